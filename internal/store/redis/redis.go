package redis

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/driftchat/driftchat-server/internal/store"
)

// RedisStore implements store.Store on a Redis server. Documents live in
// hashes and per-room sorted sets; change delivery rides on pub/sub.
// Timestamps come from the Redis TIME command inside Lua scripts, so a
// create and its index insert are atomic and every timestamp is assigned
// by the store, not by clients.
type RedisStore struct {
	client *redis.Client
}

// Options holds connection settings for the Redis backend.
type Options struct {
	Addr     string
	Password string
	DB       int
}

// New connects to Redis and verifies the connection.
func New(ctx context.Context, opts Options) (*RedisStore, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     opts.Addr,
		Password: opts.Password,
		DB:       opts.DB,
	})

	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("ping redis: %w", err)
	}

	return &RedisStore{client: client}, nil
}

// Close closes the underlying client.
func (s *RedisStore) Close() error {
	return s.client.Close()
}

const (
	ticketIndexKey = "tickets:waiting"
)

func ticketKey(requesterID string) string { return "ticket:" + requesterID }

func inviteKey(recipientID, senderID string) string {
	return "invite:" + recipientID + ":" + senderID
}

func invitePattern(recipientID string) string { return "invite:" + recipientID + ":*" }
func inviteChannel(recipientID string) string { return "invites:" + recipientID }
func roomMessagesKey(roomID string) string    { return "room:" + roomID + ":messages" }
func roomChannel(roomID string) string        { return "room:" + roomID }

// createTicketScript writes the ticket hash and its index entry with one
// server-assigned timestamp. Returns -1 if the requester already has one.
var createTicketScript = redis.NewScript(`
if redis.call('EXISTS', KEYS[1]) == 1 then
	return -1
end
local t = redis.call('TIME')
local ms = t[1] * 1000 + math.floor(t[2] / 1000)
redis.call('HSET', KEYS[1],
	'requester_id', ARGV[1],
	'name', ARGV[2],
	'color', ARGV[3],
	'avatar_letter', ARGV[4],
	'status', ARGV[5],
	'created_at_ms', ms)
redis.call('ZADD', KEYS[2], ms, ARGV[1])
return ms
`)

// deleteTicketScript removes the ticket hash and its index entry.
// Returns the number of documents actually deleted (0 or 1).
var deleteTicketScript = redis.NewScript(`
local removed = redis.call('DEL', KEYS[1])
redis.call('ZREM', KEYS[2], ARGV[1])
return removed
`)

// createInviteScript writes the invite hash and notifies the recipient's
// channel with the sender id. Returns -1 on a duplicate key.
var createInviteScript = redis.NewScript(`
if redis.call('EXISTS', KEYS[1]) == 1 then
	return -1
end
local t = redis.call('TIME')
local ms = t[1] * 1000 + math.floor(t[2] / 1000)
redis.call('HSET', KEYS[1],
	'recipient_id', ARGV[1],
	'sender_id', ARGV[2],
	'room_id', ARGV[3],
	'name', ARGV[4],
	'color', ARGV[5],
	'avatar_letter', ARGV[6],
	'status', ARGV[7],
	'created_at_ms', ms)
redis.call('PUBLISH', ARGV[8], ARGV[2])
return ms
`)

// appendMessageScript stamps the message document with server time,
// stores it in the room's sorted set and signals room watchers.
var appendMessageScript = redis.NewScript(`
local t = redis.call('TIME')
local ms = t[1] * 1000 + math.floor(t[2] / 1000)
local doc = cjson.decode(ARGV[1])
doc['server_ts_ms'] = ms
redis.call('ZADD', KEYS[1], ms, cjson.encode(doc))
redis.call('PUBLISH', ARGV[2], '')
return ms
`)

// ==== TicketStore implementation ====

// CreateTicket persists a waiting ticket with a store-assigned creation time.
func (s *RedisStore) CreateTicket(ctx context.Context, requesterID string, identity store.Identity) (*store.Ticket, error) {
	ms, err := createTicketScript.Run(ctx, s.client,
		[]string{ticketKey(requesterID), ticketIndexKey},
		requesterID, identity.Name, identity.Color, identity.AvatarLetter,
		string(store.TicketStatusWaiting),
	).Int64()
	if err != nil {
		return nil, fmt.Errorf("create ticket: %w", err)
	}
	if ms < 0 {
		return nil, store.ErrTicketExists
	}

	return &store.Ticket{
		RequesterID: requesterID,
		Identity:    identity,
		Status:      store.TicketStatusWaiting,
		CreatedAt:   time.UnixMilli(ms).UTC(),
	}, nil
}

// DeleteTicket removes the ticket; removed reports whether this call won
// the delete.
func (s *RedisStore) DeleteTicket(ctx context.Context, requesterID string) (bool, error) {
	removed, err := deleteTicketScript.Run(ctx, s.client,
		[]string{ticketKey(requesterID), ticketIndexKey}, requesterID).Int64()
	if err != nil {
		return false, fmt.Errorf("delete ticket: %w", err)
	}
	return removed > 0, nil
}

// ListWaitingTickets returns all waiting tickets, oldest first. Index
// entries whose document vanished mid-read are skipped; a concurrent
// delete already consumed them.
func (s *RedisStore) ListWaitingTickets(ctx context.Context) ([]*store.Ticket, error) {
	ids, err := s.client.ZRange(ctx, ticketIndexKey, 0, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("range ticket index: %w", err)
	}

	tickets := make([]*store.Ticket, 0, len(ids))
	for _, id := range ids {
		fields, err := s.client.HGetAll(ctx, ticketKey(id)).Result()
		if err != nil {
			return nil, fmt.Errorf("read ticket %s: %w", id, err)
		}
		if len(fields) == 0 {
			continue
		}
		t, err := ticketFromHash(fields)
		if err != nil {
			return nil, err
		}
		tickets = append(tickets, t)
	}
	return tickets, nil
}

// ==== InviteStore implementation ====

// CreateInvite persists the invite and publishes it to the recipient.
func (s *RedisStore) CreateInvite(ctx context.Context, inv *store.Invite) (*store.Invite, error) {
	ms, err := createInviteScript.Run(ctx, s.client,
		[]string{inviteKey(inv.RecipientID, inv.SenderID)},
		inv.RecipientID, inv.SenderID, inv.RoomID,
		inv.HostIdentity.Name, inv.HostIdentity.Color, inv.HostIdentity.AvatarLetter,
		string(store.InviteStatusActive),
		inviteChannel(inv.RecipientID),
	).Int64()
	if err != nil {
		return nil, fmt.Errorf("create invite: %w", err)
	}
	if ms < 0 {
		return nil, store.ErrInviteExists
	}

	created := *inv
	created.Status = store.InviteStatusActive
	created.CreatedAt = time.UnixMilli(ms).UTC()
	return &created, nil
}

// DeleteInvite removes the invite; removed reports whether this call
// deleted it.
func (s *RedisStore) DeleteInvite(ctx context.Context, recipientID, senderID string) (bool, error) {
	n, err := s.client.Del(ctx, inviteKey(recipientID, senderID)).Result()
	if err != nil {
		return false, fmt.Errorf("delete invite: %w", err)
	}
	return n > 0, nil
}

// WatchInvites subscribes to invites addressed to recipientID. The
// pub/sub subscription is opened before the snapshot scan so no invite
// created in between is lost; duplicates are filtered by sender id.
func (s *RedisStore) WatchInvites(ctx context.Context, recipientID string) (store.InviteSubscription, error) {
	pubsub := s.client.Subscribe(ctx, inviteChannel(recipientID))
	if _, err := pubsub.Receive(ctx); err != nil {
		pubsub.Close()
		return nil, fmt.Errorf("subscribe invites: %w", err)
	}

	sub := newInviteSub(pubsub)

	go func() {
		defer close(sub.out)

		seen := make(map[string]struct{})

		emit := func(invites []*store.Invite) bool {
			var fresh []*store.Invite
			for _, inv := range invites {
				if _, ok := seen[inv.SenderID]; ok {
					continue
				}
				seen[inv.SenderID] = struct{}{}
				fresh = append(fresh, inv)
			}
			if len(fresh) == 0 {
				return true
			}
			select {
			case sub.out <- fresh:
				return true
			case <-ctx.Done():
				return false
			case <-sub.done:
				return false
			}
		}

		snapshot, err := s.scanInvites(ctx, recipientID)
		if err != nil || !emit(snapshot) {
			return
		}

		ch := pubsub.Channel()
		for {
			select {
			case msg, ok := <-ch:
				if !ok {
					return
				}
				inv, err := s.getInvite(ctx, recipientID, msg.Payload)
				if err != nil || inv == nil {
					continue
				}
				if !emit([]*store.Invite{inv}) {
					return
				}
			case <-ctx.Done():
				return
			case <-sub.done:
				return
			}
		}
	}()

	return sub, nil
}

func (s *RedisStore) scanInvites(ctx context.Context, recipientID string) ([]*store.Invite, error) {
	var invites []*store.Invite
	iter := s.client.Scan(ctx, 0, invitePattern(recipientID), 0).Iterator()
	for iter.Next(ctx) {
		fields, err := s.client.HGetAll(ctx, iter.Val()).Result()
		if err != nil {
			return nil, fmt.Errorf("read invite: %w", err)
		}
		if len(fields) == 0 {
			continue
		}
		inv, err := inviteFromHash(fields)
		if err != nil {
			return nil, err
		}
		invites = append(invites, inv)
	}
	if err := iter.Err(); err != nil {
		return nil, fmt.Errorf("scan invites: %w", err)
	}
	return invites, nil
}

func (s *RedisStore) getInvite(ctx context.Context, recipientID, senderID string) (*store.Invite, error) {
	fields, err := s.client.HGetAll(ctx, inviteKey(recipientID, senderID)).Result()
	if err != nil {
		return nil, fmt.Errorf("read invite: %w", err)
	}
	if len(fields) == 0 {
		return nil, nil
	}
	return inviteFromHash(fields)
}

// ==== MessageStore implementation ====

type messageDoc struct {
	ID         string `json:"id"`
	RoomID     string `json:"room_id"`
	SenderID   string `json:"sender_id"`
	SenderName string `json:"sender_name"`
	Body       string `json:"body"`
	ServerTsMs int64  `json:"server_ts_ms,omitempty"`
}

// AppendMessage stamps and stores the message, then signals room watchers.
func (s *RedisStore) AppendMessage(ctx context.Context, msg *store.Message) (*store.Message, error) {
	id := msg.ID
	if id == "" {
		id = uuid.NewString()
	}

	doc, err := json.Marshal(messageDoc{
		ID:         id,
		RoomID:     msg.RoomID,
		SenderID:   msg.SenderID,
		SenderName: msg.SenderName,
		Body:       msg.Text,
	})
	if err != nil {
		return nil, fmt.Errorf("marshal message: %w", err)
	}

	ms, err := appendMessageScript.Run(ctx, s.client,
		[]string{roomMessagesKey(msg.RoomID)},
		string(doc), roomChannel(msg.RoomID),
	).Int64()
	if err != nil {
		return nil, fmt.Errorf("append message: %w", err)
	}

	committed := *msg
	committed.ID = id
	committed.ServerTime = time.UnixMilli(ms).UTC()
	return &committed, nil
}

// ListMessages returns the room's messages in ascending server time.
func (s *RedisStore) ListMessages(ctx context.Context, roomID string) ([]*store.Message, error) {
	raw, err := s.client.ZRange(ctx, roomMessagesKey(roomID), 0, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("range messages: %w", err)
	}

	msgs := make([]*store.Message, 0, len(raw))
	for _, entry := range raw {
		var doc messageDoc
		if err := json.Unmarshal([]byte(entry), &doc); err != nil {
			return nil, fmt.Errorf("unmarshal message: %w", err)
		}
		msgs = append(msgs, &store.Message{
			ID:         doc.ID,
			RoomID:     doc.RoomID,
			SenderID:   doc.SenderID,
			SenderName: doc.SenderName,
			Text:       doc.Body,
			ServerTime: time.UnixMilli(doc.ServerTsMs).UTC(),
		})
	}
	return msgs, nil
}

// WatchMessages subscribes to the room's full message set: one emission
// per observed change, each carrying the complete set.
func (s *RedisStore) WatchMessages(ctx context.Context, roomID string) (store.MessageSubscription, error) {
	pubsub := s.client.Subscribe(ctx, roomChannel(roomID))
	if _, err := pubsub.Receive(ctx); err != nil {
		pubsub.Close()
		return nil, fmt.Errorf("subscribe room: %w", err)
	}

	sub := newMessageSub(pubsub)

	go func() {
		defer close(sub.out)

		deliver := func() bool {
			msgs, err := s.ListMessages(ctx, roomID)
			if err != nil {
				return false
			}
			select {
			case sub.out <- msgs:
				return true
			case <-ctx.Done():
				return false
			case <-sub.done:
				return false
			}
		}

		if !deliver() {
			return
		}

		ch := pubsub.Channel()
		for {
			select {
			case _, ok := <-ch:
				if !ok {
					return
				}
				if !deliver() {
					return
				}
			case <-ctx.Done():
				return
			case <-sub.done:
				return
			}
		}
	}()

	return sub, nil
}

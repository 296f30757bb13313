package session

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"

	"github.com/rs/zerolog"

	"github.com/driftchat/driftchat-server/internal/store"
)

// ErrEmptyMessage is returned by Send for blank or whitespace-only text,
// before any store round-trip.
var ErrEmptyMessage = errors.New("message text is empty")

// Channel is the ordered message exchange for matched pairs. A room is
// purely logical: it is the set of messages sharing a room id, and any
// caller who knows the id may read or write it.
type Channel struct {
	store store.MessageStore
	log   *zerolog.Logger
}

// New constructs a Channel over the given message store.
func New(st store.MessageStore, logger *zerolog.Logger) *Channel {
	return &Channel{store: st, log: logger}
}

// Send appends a message to the room with a store-assigned timestamp.
// Duplicate sends produce duplicate messages; deduplication is the
// caller's concern.
func (c *Channel) Send(ctx context.Context, roomID, senderID, senderName, text string) (*store.Message, error) {
	if strings.TrimSpace(text) == "" {
		return nil, ErrEmptyMessage
	}

	msg, err := c.store.AppendMessage(ctx, &store.Message{
		RoomID:     roomID,
		SenderID:   senderID,
		SenderName: senderName,
		Text:       text,
	})
	if err != nil {
		return nil, fmt.Errorf("append message: %w", err)
	}

	c.log.Debug().
		Str("room_id", roomID).
		Str("sender_id", senderID).
		Str("message_id", msg.ID).
		Msg("message sent")

	return msg, nil
}

// Feed is a lazy, infinite sequence of full room views. Each emission is
// the complete message set resorted by ascending server time; messages
// the store has not stamped yet sort earliest so optimistic echoes never
// jump ahead of confirmed history.
type Feed struct {
	sub store.MessageSubscription
	out chan []*store.Message
}

// Updates returns the channel of full room views.
func (f *Feed) Updates() <-chan []*store.Message { return f.out }

// Close stops delivery. Safe to call more than once and from a
// different goroutine than the one that subscribed.
func (f *Feed) Close() error {
	return f.sub.Close()
}

// Subscribe opens a feed over the room's message set. The feed ends when
// ctx is cancelled or Close is called.
func (c *Channel) Subscribe(ctx context.Context, roomID string) (*Feed, error) {
	sub, err := c.store.WatchMessages(ctx, roomID)
	if err != nil {
		return nil, fmt.Errorf("watch messages: %w", err)
	}

	feed := &Feed{
		sub: sub,
		out: make(chan []*store.Message),
	}

	go func() {
		defer close(feed.out)
		for {
			select {
			case msgs, ok := <-sub.Messages():
				if !ok {
					return
				}
				sortMessages(msgs)
				select {
				case feed.out <- msgs:
				case <-ctx.Done():
					return
				}
			case <-ctx.Done():
				return
			}
		}
	}()

	return feed, nil
}

// sortMessages orders by ascending server time with pending messages
// first. The sort is stable and stores list messages in a deterministic order,
// so same-timestamp messages keep their position across emissions.
func sortMessages(msgs []*store.Message) {
	sort.SliceStable(msgs, func(i, j int) bool {
		a, b := msgs[i], msgs[j]
		if a.Pending() != b.Pending() {
			return a.Pending()
		}
		return a.ServerTime.Before(b.ServerTime)
	})
}

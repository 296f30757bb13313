package redis

import (
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/driftchat/driftchat-server/internal/store"
)

func ticketFromHash(fields map[string]string) (*store.Ticket, error) {
	ms, err := strconv.ParseInt(fields["created_at_ms"], 10, 64)
	if err != nil {
		return nil, fmt.Errorf("ticket created_at_ms: %w", err)
	}
	return &store.Ticket{
		RequesterID: fields["requester_id"],
		Identity: store.Identity{
			Name:         fields["name"],
			Color:        fields["color"],
			AvatarLetter: fields["avatar_letter"],
		},
		Status:    store.TicketStatus(fields["status"]),
		CreatedAt: time.UnixMilli(ms).UTC(),
	}, nil
}

func inviteFromHash(fields map[string]string) (*store.Invite, error) {
	ms, err := strconv.ParseInt(fields["created_at_ms"], 10, 64)
	if err != nil {
		return nil, fmt.Errorf("invite created_at_ms: %w", err)
	}
	return &store.Invite{
		RecipientID: fields["recipient_id"],
		SenderID:    fields["sender_id"],
		RoomID:      fields["room_id"],
		HostIdentity: store.Identity{
			Name:         fields["name"],
			Color:        fields["color"],
			AvatarLetter: fields["avatar_letter"],
		},
		Status:    store.InviteStatus(fields["status"]),
		CreatedAt: time.UnixMilli(ms).UTC(),
	}, nil
}

type inviteSub struct {
	pubsub    *redis.PubSub
	out       chan []*store.Invite
	done      chan struct{}
	closeOnce sync.Once
}

func newInviteSub(pubsub *redis.PubSub) *inviteSub {
	return &inviteSub{
		pubsub: pubsub,
		out:    make(chan []*store.Invite),
		done:   make(chan struct{}),
	}
}

func (s *inviteSub) Invites() <-chan []*store.Invite { return s.out }

// Close stops delivery. Safe to call more than once and from any goroutine.
func (s *inviteSub) Close() error {
	var err error
	s.closeOnce.Do(func() {
		close(s.done)
		err = s.pubsub.Close()
	})
	return err
}

type messageSub struct {
	pubsub    *redis.PubSub
	out       chan []*store.Message
	done      chan struct{}
	closeOnce sync.Once
}

func newMessageSub(pubsub *redis.PubSub) *messageSub {
	return &messageSub{
		pubsub: pubsub,
		out:    make(chan []*store.Message),
		done:   make(chan struct{}),
	}
}

func (s *messageSub) Messages() <-chan []*store.Message { return s.out }

// Close stops delivery. Safe to call more than once and from any goroutine.
func (s *messageSub) Close() error {
	var err error
	s.closeOnce.Do(func() {
		close(s.done)
		err = s.pubsub.Close()
	})
	return err
}

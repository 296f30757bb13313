package sqlite

import (
	"sync"

	"github.com/driftchat/driftchat-server/internal/store"
)

type inviteSub struct {
	out       chan []*store.Invite
	done      chan struct{}
	closeOnce sync.Once
}

func (s *inviteSub) Invites() <-chan []*store.Invite { return s.out }

// Close stops delivery. Safe to call more than once and from any goroutine.
func (s *inviteSub) Close() error {
	s.closeOnce.Do(func() { close(s.done) })
	return nil
}

type messageSub struct {
	out       chan []*store.Message
	done      chan struct{}
	closeOnce sync.Once
}

func (s *messageSub) Messages() <-chan []*store.Message { return s.out }

// Close stops delivery. Safe to call more than once and from any goroutine.
func (s *messageSub) Close() error {
	s.closeOnce.Do(func() { close(s.done) })
	return nil
}

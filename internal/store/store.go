package store

import (
	"context"
	"errors"
	"time"
)

// Identity is the display payload a requester attaches to its ticket.
// The store and the matcher forward it without interpreting any field.
type Identity struct {
	Name         string `json:"name"`
	Color        string `json:"color"`
	AvatarLetter string `json:"avatar_letter"`
}

// TicketStatus is the lifecycle state of a waiting ticket.
type TicketStatus string

const (
	// TicketStatusWaiting marks a requester currently seeking a partner.
	TicketStatusWaiting TicketStatus = "waiting"
)

// Ticket records one requester waiting to be paired.
// At most one ticket exists per requester at any instant.
type Ticket struct {
	RequesterID string
	Identity    Identity
	Status      TicketStatus
	CreatedAt   time.Time // assigned by the store at creation
}

// InviteStatus is the lifecycle state of an invite.
type InviteStatus string

const (
	// InviteStatusActive marks an invite that has not been consumed yet.
	InviteStatusActive InviteStatus = "active"
)

// Invite is a directed pairing notification from a host to a guest.
// Keyed by (RecipientID, SenderID); immutable once written.
type Invite struct {
	RecipientID  string
	SenderID     string
	RoomID       string
	HostIdentity Identity
	Status       InviteStatus
	CreatedAt    time.Time // assigned by the store at creation
}

// Message is one entry in a room's append-only stream.
type Message struct {
	ID         string
	RoomID     string
	SenderID   string
	SenderName string
	Text       string
	ServerTime time.Time // assigned by the store; zero until committed
}

// Pending reports whether the store has not yet stamped the message.
// Pending messages sort before all committed ones.
func (m *Message) Pending() bool {
	return m.ServerTime.IsZero()
}

var (
	// ErrTicketExists is returned when the requester already has a ticket.
	ErrTicketExists = errors.New("ticket already exists for requester")
	// ErrInviteExists is returned when an invite with the same
	// (recipient, sender) key already exists.
	ErrInviteExists = errors.New("invite already exists")
)

// InviteSubscription delivers invites addressed to one recipient.
// The first batch is the current snapshot; later batches carry newly
// created invites. Close is idempotent and releases the subscription.
type InviteSubscription interface {
	Invites() <-chan []*Invite
	Close() error
}

// MessageSubscription delivers the current full message set of a room.
// Every emission is the complete set as of some store state; consumers
// diff against their previous view for incremental behavior.
type MessageSubscription interface {
	Messages() <-chan []*Message
	Close() error
}

// TicketStore handles waiting-ticket persistence.
type TicketStore interface {
	// CreateTicket persists a waiting ticket with a store-assigned
	// creation time. Returns ErrTicketExists if the requester already
	// has one.
	CreateTicket(ctx context.Context, requesterID string, identity Identity) (*Ticket, error)

	// DeleteTicket removes the requester's ticket. The removed result
	// reports whether this call actually deleted it; false means the
	// ticket was already gone, which callers racing over the same
	// ticket must treat as having lost the race.
	DeleteTicket(ctx context.Context, requesterID string) (removed bool, err error)

	// ListWaitingTickets returns all tickets with status waiting,
	// ordered oldest first.
	ListWaitingTickets(ctx context.Context) ([]*Ticket, error)
}

// InviteStore handles invite persistence and delivery.
type InviteStore interface {
	// CreateInvite persists an invite keyed by (recipient, sender) with
	// a store-assigned creation time. Returns ErrInviteExists on a
	// duplicate key.
	CreateInvite(ctx context.Context, inv *Invite) (*Invite, error)

	// DeleteInvite removes the invite from sender to recipient. The
	// removed result reports whether this call deleted it.
	DeleteInvite(ctx context.Context, recipientID, senderID string) (removed bool, err error)

	// WatchInvites subscribes to invites addressed to recipientID.
	// The subscription ends when ctx is cancelled or Close is called.
	WatchInvites(ctx context.Context, recipientID string) (InviteSubscription, error)
}

// MessageStore handles room message persistence and delivery.
type MessageStore interface {
	// AppendMessage persists a message with a store-assigned timestamp
	// and returns the committed copy.
	AppendMessage(ctx context.Context, msg *Message) (*Message, error)

	// ListMessages returns all messages of a room ordered by ascending
	// server time.
	ListMessages(ctx context.Context, roomID string) ([]*Message, error)

	// WatchMessages subscribes to the full message set of a room.
	WatchMessages(ctx context.Context, roomID string) (MessageSubscription, error)
}

// Store aggregates the capabilities the rendezvous protocol relies on.
type Store interface {
	TicketStore
	InviteStore
	MessageStore

	// Close releases the underlying connection.
	Close() error
}

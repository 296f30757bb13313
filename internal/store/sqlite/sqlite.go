package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/mattn/go-sqlite3"

	"github.com/driftchat/driftchat-server/internal/store"
)

// serverNowMillis is evaluated inside SQL so timestamps are assigned by
// the store at write time, never by the caller's clock.
const serverNowMillis = "CAST((julianday('now') - 2440587.5) * 86400000 AS INTEGER)"

const schema = `
CREATE TABLE IF NOT EXISTS tickets (
	requester_id  TEXT PRIMARY KEY,
	name          TEXT NOT NULL,
	color         TEXT NOT NULL,
	avatar_letter TEXT NOT NULL,
	status        TEXT NOT NULL DEFAULT 'waiting',
	created_at_ms INTEGER NOT NULL
);

CREATE TABLE IF NOT EXISTS invites (
	recipient_id  TEXT NOT NULL,
	sender_id     TEXT NOT NULL,
	room_id       TEXT NOT NULL,
	name          TEXT NOT NULL,
	color         TEXT NOT NULL,
	avatar_letter TEXT NOT NULL,
	status        TEXT NOT NULL DEFAULT 'active',
	created_at_ms INTEGER NOT NULL,
	PRIMARY KEY (recipient_id, sender_id)
);

CREATE TABLE IF NOT EXISTS messages (
	id            TEXT PRIMARY KEY,
	room_id       TEXT NOT NULL,
	sender_id     TEXT NOT NULL,
	sender_name   TEXT NOT NULL,
	body          TEXT NOT NULL,
	server_ts_ms  INTEGER NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_messages_room ON messages (room_id, server_ts_ms);
`

// SQLiteStore implements store.Store on an embedded SQLite database.
// It is meant for development and tests; change subscriptions only see
// writes that go through this process.
type SQLiteStore struct {
	db      *sql.DB
	watcher *notifier
}

// New opens (or creates) the database at dbPath and applies the schema.
// Use ":memory:" for an ephemeral store.
func New(dbPath string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite3", dbPath+"?_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}

	// SQLite works best with a single connection.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("apply schema: %w", err)
	}

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping sqlite: %w", err)
	}

	return &SQLiteStore{db: db, watcher: newNotifier()}, nil
}

// Close closes the database connection.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

func isConstraintErr(err error) bool {
	var sqliteErr sqlite3.Error
	return errors.As(err, &sqliteErr) && sqliteErr.Code == sqlite3.ErrConstraint
}

// ==== TicketStore implementation ====

// CreateTicket persists a waiting ticket with a store-assigned creation time.
func (s *SQLiteStore) CreateTicket(ctx context.Context, requesterID string, identity store.Identity) (*store.Ticket, error) {
	query := `
		INSERT INTO tickets (requester_id, name, color, avatar_letter, status, created_at_ms)
		VALUES (?, ?, ?, ?, ?, ` + serverNowMillis + `)
	`
	_, err := s.db.ExecContext(ctx, query,
		requesterID, identity.Name, identity.Color, identity.AvatarLetter, store.TicketStatusWaiting)
	if err != nil {
		if isConstraintErr(err) {
			return nil, store.ErrTicketExists
		}
		return nil, fmt.Errorf("insert ticket: %w", err)
	}

	return s.getTicket(ctx, requesterID)
}

func (s *SQLiteStore) getTicket(ctx context.Context, requesterID string) (*store.Ticket, error) {
	query := `
		SELECT requester_id, name, color, avatar_letter, status, created_at_ms
		FROM tickets
		WHERE requester_id = ?
	`
	row := s.db.QueryRowContext(ctx, query, requesterID)

	var t store.Ticket
	var createdMs int64
	err := row.Scan(&t.RequesterID, &t.Identity.Name, &t.Identity.Color,
		&t.Identity.AvatarLetter, &t.Status, &createdMs)
	if err != nil {
		return nil, fmt.Errorf("scan ticket: %w", err)
	}
	t.CreatedAt = time.UnixMilli(createdMs).UTC()
	return &t, nil
}

// DeleteTicket removes the requester's ticket and reports whether this
// call deleted it. Deleting an already-gone ticket is not an error.
func (s *SQLiteStore) DeleteTicket(ctx context.Context, requesterID string) (bool, error) {
	result, err := s.db.ExecContext(ctx, `DELETE FROM tickets WHERE requester_id = ?`, requesterID)
	if err != nil {
		return false, fmt.Errorf("delete ticket: %w", err)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("rows affected: %w", err)
	}
	return n > 0, nil
}

// ListWaitingTickets returns all waiting tickets, oldest first.
func (s *SQLiteStore) ListWaitingTickets(ctx context.Context) ([]*store.Ticket, error) {
	query := `
		SELECT requester_id, name, color, avatar_letter, status, created_at_ms
		FROM tickets
		WHERE status = ?
		ORDER BY created_at_ms ASC, requester_id ASC
	`
	rows, err := s.db.QueryContext(ctx, query, store.TicketStatusWaiting)
	if err != nil {
		return nil, fmt.Errorf("query tickets: %w", err)
	}
	defer rows.Close()

	var tickets []*store.Ticket
	for rows.Next() {
		var t store.Ticket
		var createdMs int64
		if err := rows.Scan(&t.RequesterID, &t.Identity.Name, &t.Identity.Color,
			&t.Identity.AvatarLetter, &t.Status, &createdMs); err != nil {
			return nil, fmt.Errorf("scan ticket: %w", err)
		}
		t.CreatedAt = time.UnixMilli(createdMs).UTC()
		tickets = append(tickets, &t)
	}
	return tickets, rows.Err()
}

// ==== InviteStore implementation ====

// CreateInvite persists an invite and notifies watchers of the recipient.
func (s *SQLiteStore) CreateInvite(ctx context.Context, inv *store.Invite) (*store.Invite, error) {
	query := `
		INSERT INTO invites (recipient_id, sender_id, room_id, name, color, avatar_letter, status, created_at_ms)
		VALUES (?, ?, ?, ?, ?, ?, ?, ` + serverNowMillis + `)
	`
	_, err := s.db.ExecContext(ctx, query,
		inv.RecipientID, inv.SenderID, inv.RoomID,
		inv.HostIdentity.Name, inv.HostIdentity.Color, inv.HostIdentity.AvatarLetter,
		store.InviteStatusActive)
	if err != nil {
		if isConstraintErr(err) {
			return nil, store.ErrInviteExists
		}
		return nil, fmt.Errorf("insert invite: %w", err)
	}

	created, err := s.getInvite(ctx, inv.RecipientID, inv.SenderID)
	if err != nil {
		return nil, err
	}

	s.watcher.notify(inviteTopic(inv.RecipientID))
	return created, nil
}

func (s *SQLiteStore) getInvite(ctx context.Context, recipientID, senderID string) (*store.Invite, error) {
	query := `
		SELECT recipient_id, sender_id, room_id, name, color, avatar_letter, status, created_at_ms
		FROM invites
		WHERE recipient_id = ? AND sender_id = ?
	`
	row := s.db.QueryRowContext(ctx, query, recipientID, senderID)
	return scanInvite(row)
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanInvite(row rowScanner) (*store.Invite, error) {
	var inv store.Invite
	var createdMs int64
	err := row.Scan(&inv.RecipientID, &inv.SenderID, &inv.RoomID,
		&inv.HostIdentity.Name, &inv.HostIdentity.Color, &inv.HostIdentity.AvatarLetter,
		&inv.Status, &createdMs)
	if err != nil {
		return nil, fmt.Errorf("scan invite: %w", err)
	}
	inv.CreatedAt = time.UnixMilli(createdMs).UTC()
	return &inv, nil
}

// DeleteInvite removes the invite and reports whether this call deleted it.
func (s *SQLiteStore) DeleteInvite(ctx context.Context, recipientID, senderID string) (bool, error) {
	result, err := s.db.ExecContext(ctx,
		`DELETE FROM invites WHERE recipient_id = ? AND sender_id = ?`, recipientID, senderID)
	if err != nil {
		return false, fmt.Errorf("delete invite: %w", err)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("rows affected: %w", err)
	}
	return n > 0, nil
}

func (s *SQLiteStore) listInvites(ctx context.Context, recipientID string) ([]*store.Invite, error) {
	query := `
		SELECT recipient_id, sender_id, room_id, name, color, avatar_letter, status, created_at_ms
		FROM invites
		WHERE recipient_id = ? AND status = ?
		ORDER BY created_at_ms ASC, sender_id ASC
	`
	rows, err := s.db.QueryContext(ctx, query, recipientID, store.InviteStatusActive)
	if err != nil {
		return nil, fmt.Errorf("query invites: %w", err)
	}
	defer rows.Close()

	var invites []*store.Invite
	for rows.Next() {
		inv, err := scanInvite(rows)
		if err != nil {
			return nil, err
		}
		invites = append(invites, inv)
	}
	return invites, rows.Err()
}

// WatchInvites subscribes to invites addressed to recipientID: an initial
// snapshot batch, then batches of invites not seen before.
func (s *SQLiteStore) WatchInvites(ctx context.Context, recipientID string) (store.InviteSubscription, error) {
	topic := inviteTopic(recipientID)
	signal := s.watcher.subscribe(topic)

	sub := &inviteSub{
		out:  make(chan []*store.Invite),
		done: make(chan struct{}),
	}

	go func() {
		defer close(sub.out)
		defer s.watcher.unsubscribe(topic, signal)

		seen := make(map[string]struct{})

		deliver := func() bool {
			invites, err := s.listInvites(ctx, recipientID)
			if err != nil {
				// The context is gone or the store is closed; either
				// way the watcher cannot make progress.
				return false
			}
			var fresh []*store.Invite
			for _, inv := range invites {
				key := inv.SenderID
				if _, ok := seen[key]; ok {
					continue
				}
				seen[key] = struct{}{}
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

		if !deliver() {
			return
		}
		for {
			select {
			case <-signal:
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

// ==== MessageStore implementation ====

// AppendMessage persists the message with a store-assigned timestamp and
// notifies room watchers.
func (s *SQLiteStore) AppendMessage(ctx context.Context, msg *store.Message) (*store.Message, error) {
	id := msg.ID
	if id == "" {
		id = uuid.NewString()
	}

	query := `
		INSERT INTO messages (id, room_id, sender_id, sender_name, body, server_ts_ms)
		VALUES (?, ?, ?, ?, ?, ` + serverNowMillis + `)
	`
	if _, err := s.db.ExecContext(ctx, query,
		id, msg.RoomID, msg.SenderID, msg.SenderName, msg.Text); err != nil {
		return nil, fmt.Errorf("insert message: %w", err)
	}

	row := s.db.QueryRowContext(ctx, `
		SELECT id, room_id, sender_id, sender_name, body, server_ts_ms
		FROM messages
		WHERE id = ?
	`, id)

	committed, err := scanMessage(row)
	if err != nil {
		return nil, err
	}

	s.watcher.notify(roomTopic(msg.RoomID))
	return committed, nil
}

func scanMessage(row rowScanner) (*store.Message, error) {
	var m store.Message
	var tsMs int64
	err := row.Scan(&m.ID, &m.RoomID, &m.SenderID, &m.SenderName, &m.Text, &tsMs)
	if err != nil {
		return nil, fmt.Errorf("scan message: %w", err)
	}
	m.ServerTime = time.UnixMilli(tsMs).UTC()
	return &m, nil
}

// ListMessages returns all messages of a room in ascending server time.
func (s *SQLiteStore) ListMessages(ctx context.Context, roomID string) ([]*store.Message, error) {
	query := `
		SELECT id, room_id, sender_id, sender_name, body, server_ts_ms
		FROM messages
		WHERE room_id = ?
		ORDER BY server_ts_ms ASC, rowid ASC
	`
	rows, err := s.db.QueryContext(ctx, query, roomID)
	if err != nil {
		return nil, fmt.Errorf("query messages: %w", err)
	}
	defer rows.Close()

	var msgs []*store.Message
	for rows.Next() {
		m, err := scanMessage(rows)
		if err != nil {
			return nil, err
		}
		msgs = append(msgs, m)
	}
	return msgs, rows.Err()
}

// WatchMessages subscribes to the full message set of a room. Each
// emission is the complete set as of some store state.
func (s *SQLiteStore) WatchMessages(ctx context.Context, roomID string) (store.MessageSubscription, error) {
	topic := roomTopic(roomID)
	signal := s.watcher.subscribe(topic)

	sub := &messageSub{
		out:  make(chan []*store.Message),
		done: make(chan struct{}),
	}

	go func() {
		defer close(sub.out)
		defer s.watcher.unsubscribe(topic, signal)

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
		for {
			select {
			case <-signal:
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

func inviteTopic(recipientID string) string { return "invites:" + recipientID }
func roomTopic(roomID string) string        { return "room:" + roomID }

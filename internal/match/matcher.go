package match

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/driftchat/driftchat-server/internal/store"
)

var (
	// ErrSearchInProgress is returned when FindPartner is called for a
	// requester whose previous search has not finished.
	ErrSearchInProgress = errors.New("search already in progress for requester")
	// ErrRetriesExhausted is returned when the retry budget for
	// transient store failures runs out.
	ErrRetriesExhausted = errors.New("retries exhausted")
)

// State is the lifecycle of one search session.
type State int

const (
	// StateIdle means no search has been started or the previous one
	// fully unwound.
	StateIdle State = iota
	// StateSearching means a FindPartner call is in flight.
	StateSearching
	// StateMatched means the last search resolved to a partner.
	StateMatched
	// StateCancelled means the last search was cancelled by the caller.
	StateCancelled
)

func (s State) String() string {
	switch s {
	case StateSearching:
		return "searching"
	case StateMatched:
		return "matched"
	case StateCancelled:
		return "cancelled"
	default:
		return "idle"
	}
}

// UpdateKind classifies intermediate search notifications.
type UpdateKind int

const (
	// UpdateSearching reports that the search has started or restarted.
	UpdateSearching UpdateKind = iota
	// UpdateRetrying reports a transient store failure and the backoff
	// attempt number.
	UpdateRetrying
)

// Update is an intermediate status notification for an in-flight search.
type Update struct {
	Kind    UpdateKind
	Attempt int
}

// Notify receives intermediate search updates. It is called from the
// searching goroutine and must not block.
type Notify func(Update)

// Match is the result of a resolved search: the shared room and the
// partner's public identity.
type Match struct {
	RoomID          string
	PartnerID       string
	PartnerIdentity store.Identity
}

// Config tunes the transient-failure retry behavior.
type Config struct {
	// RetryBackoff is the fixed delay between retry attempts.
	RetryBackoff time.Duration
	// MaxAttempts bounds retries of transient store failures. Lost
	// delete races do not count against it.
	MaxAttempts int
}

// DefaultConfig returns the retry settings used when none are supplied.
func DefaultConfig() Config {
	return Config{
		RetryBackoff: 2 * time.Second,
		MaxAttempts:  5,
	}
}

// Matcher pairs requesters through the waiting-pool/invite protocol.
// The store's create/delete semantics are the only coordination
// primitive: whoever's delete actually removes a ticket wins the right
// to pair with it.
type Matcher struct {
	store store.Store
	log   *zerolog.Logger
	cfg   Config

	mu       sync.Mutex
	sessions map[string]State
}

// New constructs a Matcher over the given store.
func New(st store.Store, logger *zerolog.Logger, cfg Config) *Matcher {
	if cfg.RetryBackoff <= 0 {
		cfg.RetryBackoff = DefaultConfig().RetryBackoff
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = DefaultConfig().MaxAttempts
	}
	return &Matcher{
		store:    st,
		log:      logger,
		cfg:      cfg,
		sessions: make(map[string]State),
	}
}

// State reports the lifecycle state of the requester's current or most
// recent search session.
func (m *Matcher) State(requesterID string) State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.sessions[requesterID]
}

// FindPartner resolves the requester into a pairing. It returns
// synchronously when another requester is already waiting (host path) or
// blocks until an invite arrives (guest path). Cancel by cancelling ctx;
// cancellation releases the subscription and best-effort deletes any
// ticket the call created.
//
// At most one call may be in flight per requester; concurrent calls for
// the same requester fail with ErrSearchInProgress.
func (m *Matcher) FindPartner(ctx context.Context, requesterID string, identity store.Identity, notify Notify) (*Match, error) {
	if err := m.begin(requesterID); err != nil {
		return nil, err
	}

	match, err := m.run(ctx, requesterID, identity, notify)

	switch {
	case match != nil:
		m.setState(requesterID, StateMatched)
	case errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded):
		m.setState(requesterID, StateCancelled)
	default:
		m.setState(requesterID, StateIdle)
	}
	return match, err
}

func (m *Matcher) begin(requesterID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.sessions[requesterID] == StateSearching {
		return ErrSearchInProgress
	}
	m.sessions[requesterID] = StateSearching
	return nil
}

func (m *Matcher) setState(requesterID string, s State) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if s == StateIdle {
		delete(m.sessions, requesterID)
		return
	}
	m.sessions[requesterID] = s
}

func (m *Matcher) run(ctx context.Context, requesterID string, identity store.Identity, notify Notify) (*Match, error) {
	emit(notify, Update{Kind: UpdateSearching})

	attempt := 0
	for {
		tickets, err := m.store.ListWaitingTickets(ctx)
		if err != nil {
			if err := m.backoff(ctx, notify, &attempt, err); err != nil {
				return nil, err
			}
			continue
		}

		// Self-exclusion happens here, never in the store.
		candidates := tickets[:0:0]
		for _, t := range tickets {
			if t.RequesterID != requesterID {
				candidates = append(candidates, t)
			}
		}

		if len(candidates) == 0 {
			match, retry, err := m.waitAsGuest(ctx, requesterID, identity, notify, &attempt)
			if retry {
				continue
			}
			return match, err
		}

		chosen := oldest(candidates)

		removed, err := m.store.DeleteTicket(ctx, chosen.RequesterID)
		if err != nil {
			if err := m.backoff(ctx, notify, &attempt, err); err != nil {
				return nil, err
			}
			continue
		}
		if !removed {
			// Another host consumed this ticket first. Requery.
			m.log.Debug().
				Str("requester_id", requesterID).
				Str("ticket_id", chosen.RequesterID).
				Msg("lost ticket race, searching again")
			continue
		}

		roomID := RoomID(requesterID, chosen.RequesterID)
		if err := m.sendInvite(ctx, roomID, requesterID, identity, chosen.RequesterID, notify, &attempt); err != nil {
			return nil, err
		}

		m.log.Info().
			Str("requester_id", requesterID).
			Str("partner_id", chosen.RequesterID).
			Str("room_id", roomID).
			Msg("matched as host")

		return &Match{
			RoomID:          roomID,
			PartnerID:       chosen.RequesterID,
			PartnerIdentity: chosen.Identity,
		}, nil
	}
}

// sendInvite writes the invite for a ticket this requester already
// consumed. The ticket delete has been won, so failures here retry the
// invite write itself rather than restarting the search; restarting
// would strand the guest whose ticket is gone.
func (m *Matcher) sendInvite(ctx context.Context, roomID, requesterID string, identity store.Identity, guestID string, notify Notify, attempt *int) error {
	for {
		_, err := m.store.CreateInvite(ctx, &store.Invite{
			RecipientID:  guestID,
			SenderID:     requesterID,
			RoomID:       roomID,
			HostIdentity: identity,
			Status:       store.InviteStatusActive,
		})
		if err == nil || errors.Is(err, store.ErrInviteExists) {
			// An existing invite for this pair carries the same
			// deterministic room id, so it already serves.
			return nil
		}
		if err := m.backoff(ctx, notify, attempt, err); err != nil {
			return err
		}
	}
}

// waitAsGuest creates the requester's own ticket and blocks until an
// invite arrives or ctx is cancelled. retry=true asks the caller to
// restart the search from the ticket query.
func (m *Matcher) waitAsGuest(ctx context.Context, requesterID string, identity store.Identity, notify Notify, attempt *int) (match *Match, retry bool, err error) {
	ticket, err := m.store.CreateTicket(ctx, requesterID, identity)
	if err != nil {
		if errors.Is(err, store.ErrTicketExists) {
			// The one-in-flight guard makes this unreachable in correct
			// use; surface it instead of silently double-booking.
			return nil, false, fmt.Errorf("requester %s: %w", requesterID, err)
		}
		if err := m.backoff(ctx, notify, attempt, err); err != nil {
			return nil, false, err
		}
		return nil, true, nil
	}

	m.log.Debug().
		Str("requester_id", requesterID).
		Time("created_at", ticket.CreatedAt).
		Msg("waiting for partner")

	sub, err := m.store.WatchInvites(ctx, requesterID)
	if err != nil {
		m.deleteOwnTicket(requesterID)
		if err := m.backoff(ctx, notify, attempt, err); err != nil {
			return nil, false, err
		}
		return nil, true, nil
	}
	defer sub.Close()

	for {
		select {
		case batch, ok := <-sub.Invites():
			if !ok {
				// Subscription died underneath us; release the ticket
				// and start over.
				m.deleteOwnTicket(requesterID)
				if err := m.backoff(ctx, notify, attempt, errors.New("invite subscription closed")); err != nil {
					return nil, false, err
				}
				return nil, true, nil
			}
			inv := firstActive(batch)
			if inv == nil {
				continue
			}
			return m.acceptInvite(requesterID, inv), false, nil

		case <-ctx.Done():
			m.deleteOwnTicket(requesterID)
			return nil, false, ctx.Err()
		}
	}
}

// acceptInvite consumes an invite on the guest path. Both deletes are
// best-effort: the ticket may already have been taken by a racing host
// and the invite cleanup only affects storage hygiene.
func (m *Matcher) acceptInvite(requesterID string, inv *store.Invite) *Match {
	m.deleteOwnTicket(requesterID)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if _, err := m.store.DeleteInvite(ctx, requesterID, inv.SenderID); err != nil {
		m.log.Warn().Err(err).
			Str("requester_id", requesterID).
			Str("host_id", inv.SenderID).
			Msg("failed to clean up consumed invite")
	}

	m.log.Info().
		Str("requester_id", requesterID).
		Str("partner_id", inv.SenderID).
		Str("room_id", inv.RoomID).
		Msg("matched as guest")

	return &Match{
		RoomID:          inv.RoomID,
		PartnerID:       inv.SenderID,
		PartnerIdentity: inv.HostIdentity,
	}
}

// deleteOwnTicket removes the requester's ticket on a fresh context so
// cleanup still runs after the search context is cancelled. A failure is
// logged and ignored: the worst outcome is a wasted pairing attempt by
// someone else.
func (m *Matcher) deleteOwnTicket(requesterID string) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if _, err := m.store.DeleteTicket(ctx, requesterID); err != nil {
		m.log.Warn().Err(err).
			Str("requester_id", requesterID).
			Msg("failed to delete own ticket")
	}
}

// backoff accounts one transient failure against the retry budget and
// sleeps, honoring cancellation.
func (m *Matcher) backoff(ctx context.Context, notify Notify, attempt *int, cause error) error {
	*attempt++
	if *attempt > m.cfg.MaxAttempts {
		return fmt.Errorf("%w: %w", ErrRetriesExhausted, cause)
	}

	m.log.Warn().Err(cause).Int("attempt", *attempt).Msg("transient store failure, backing off")
	emit(notify, Update{Kind: UpdateRetrying, Attempt: *attempt})

	timer := time.NewTimer(m.cfg.RetryBackoff)
	defer timer.Stop()
	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// oldest picks the earliest ticket by creation time, ties broken by
// requester id so concurrent hosts choose consistently.
func oldest(tickets []*store.Ticket) *store.Ticket {
	best := tickets[0]
	for _, t := range tickets[1:] {
		if t.CreatedAt.Before(best.CreatedAt) ||
			(t.CreatedAt.Equal(best.CreatedAt) && t.RequesterID < best.RequesterID) {
			best = t
		}
	}
	return best
}

func firstActive(batch []*store.Invite) *store.Invite {
	for _, inv := range batch {
		if inv.Status == store.InviteStatusActive && inv.RoomID != "" {
			return inv
		}
	}
	return nil
}

func emit(notify Notify, u Update) {
	if notify != nil {
		notify(u)
	}
}

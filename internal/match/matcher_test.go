package match_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/driftchat/driftchat-server/internal/log"
	"github.com/driftchat/driftchat-server/internal/match"
	"github.com/driftchat/driftchat-server/internal/store"
	"github.com/driftchat/driftchat-server/internal/store/sqlite"
)

func newTestStore(t *testing.T) *sqlite.SQLiteStore {
	t.Helper()
	st, err := sqlite.New(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })
	return st
}

func newMatcher(st store.Store) *match.Matcher {
	return match.New(st, log.Nop(), match.Config{
		RetryBackoff: 10 * time.Millisecond,
		MaxAttempts:  3,
	})
}

func ident(name string) store.Identity {
	return store.Identity{Name: name, Color: "#123456", AvatarLetter: name[:1]}
}

type result struct {
	match *match.Match
	err   error
}

func findAsync(ctx context.Context, m *match.Matcher, requesterID string) <-chan result {
	ch := make(chan result, 1)
	go func() {
		res, err := m.FindPartner(ctx, requesterID, ident(requesterID), nil)
		ch <- result{res, err}
	}()
	return ch
}

func waitForTicket(t *testing.T, st store.Store, requesterID string) {
	t.Helper()
	require.Eventually(t, func() bool {
		tickets, err := st.ListWaitingTickets(context.Background())
		if err != nil {
			return false
		}
		for _, ticket := range tickets {
			if ticket.RequesterID == requesterID {
				return true
			}
		}
		return false
	}, 2*time.Second, 5*time.Millisecond, "ticket for %s never appeared", requesterID)
}

func TestGuestThenHostPairing(t *testing.T) {
	st := newTestStore(t)
	m := newMatcher(st)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	// A arrives first: empty pool, so A parks a ticket and waits.
	aCh := findAsync(ctx, m, "requester-a")
	waitForTicket(t, st, "requester-a")

	// B arrives second: consumes A's ticket and resolves synchronously.
	bRes, err := m.FindPartner(ctx, "requester-b", ident("requester-b"), nil)
	require.NoError(t, err)
	require.NotNil(t, bRes)
	assert.Equal(t, "requester-a", bRes.PartnerID)
	assert.Equal(t, "requester-a", bRes.PartnerIdentity.Name)

	// A's invite subscription fires with the same room.
	aRes := <-aCh
	require.NoError(t, aRes.err)
	require.NotNil(t, aRes.match)
	assert.Equal(t, "requester-b", aRes.match.PartnerID)
	assert.Equal(t, bRes.RoomID, aRes.match.RoomID)
	assert.Equal(t, match.RoomID("requester-a", "requester-b"), bRes.RoomID)

	// The consumed ticket is gone.
	tickets, err := st.ListWaitingTickets(context.Background())
	require.NoError(t, err)
	assert.Empty(t, tickets)
}

func TestConcurrentArrivalsPartitionIntoPairs(t *testing.T) {
	st := newTestStore(t)
	m := newMatcher(st)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	ids := []string{"p1", "p2", "p3", "p4", "p5", "p6"}
	pending := make(map[string]<-chan result)

	// Arrivals observe each other through the waiting pool, so each
	// even arrival must have parked its ticket before the next one
	// queries. Odd arrivals resolve synchronously as hosts.
	for i, id := range ids {
		ch := findAsync(ctx, m, id)
		pending[id] = ch
		if i%2 == 0 {
			waitForTicket(t, st, id)
		} else {
			require.Eventually(t, func() bool {
				tickets, err := st.ListWaitingTickets(context.Background())
				return err == nil && len(tickets) == 0
			}, 2*time.Second, 5*time.Millisecond, "pool should drain after %s hosts", id)
		}
	}

	results := make(map[string]*match.Match)
	for id, ch := range pending {
		select {
		case res := <-ch:
			require.NoError(t, res.err, "find partner %s", id)
			results[id] = res.match
		case <-ctx.Done():
			t.Fatalf("requester %s never resolved", id)
		}
	}

	require.Len(t, results, len(ids))

	// Each requester appears in exactly one pair and both members of a
	// pair agree on the room.
	for id, res := range results {
		partner := results[res.PartnerID]
		require.NotNil(t, partner, "%s paired with %s who has no result", id, res.PartnerID)
		assert.Equal(t, id, partner.PartnerID, "pairing must be mutual")
		assert.Equal(t, res.RoomID, partner.RoomID)
		assert.Equal(t, match.RoomID(id, res.PartnerID), res.RoomID)
	}

	rooms := make(map[string]int)
	for _, res := range results {
		rooms[res.RoomID]++
	}
	assert.Len(t, rooms, len(ids)/2)
	for room, n := range rooms {
		assert.Equal(t, 2, n, "room %s must hold exactly two requesters", room)
	}
}

func TestTwoHostsRaceForOneTicket(t *testing.T) {
	st := newTestStore(t)
	m := newMatcher(st)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	_, err := st.CreateTicket(ctx, "requester-b", ident("requester-b"))
	require.NoError(t, err)

	aCh := findAsync(ctx, m, "requester-a")
	cCh := findAsync(ctx, m, "requester-c")

	// Exactly one of A, C wins B's ticket; the loser falls back to
	// waiting with its own ticket.
	var winner result
	var loserCh <-chan result
	select {
	case winner = <-aCh:
		loserCh = cCh
	case winner = <-cCh:
		loserCh = aCh
	}
	require.NoError(t, winner.err)
	assert.Equal(t, "requester-b", winner.match.PartnerID)

	// The loser must be parked as a guest, not paired with B.
	select {
	case res := <-loserCh:
		t.Fatalf("loser resolved unexpectedly: %+v, %v", res.match, res.err)
	case <-time.After(200 * time.Millisecond):
	}

	tickets, err := st.ListWaitingTickets(context.Background())
	require.NoError(t, err)
	require.Len(t, tickets, 1, "exactly the loser's ticket should remain")
	assert.NotEqual(t, "requester-b", tickets[0].RequesterID)

	cancel()
	res := <-loserCh
	assert.ErrorIs(t, res.err, context.Canceled)
}

func TestCancelRemovesTicket(t *testing.T) {
	st := newTestStore(t)
	m := newMatcher(st)

	ctx, cancel := context.WithCancel(context.Background())
	aCh := findAsync(ctx, m, "requester-a")
	waitForTicket(t, st, "requester-a")

	cancel()
	res := <-aCh
	assert.ErrorIs(t, res.err, context.Canceled)
	assert.Equal(t, match.StateCancelled, m.State("requester-a"))

	// No resurrection: a later host search must not observe the ticket.
	tickets, err := st.ListWaitingTickets(context.Background())
	require.NoError(t, err)
	assert.Empty(t, tickets)
}

func TestConcurrentSearchForSameRequesterRejected(t *testing.T) {
	st := newTestStore(t)
	m := newMatcher(st)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	aCh := findAsync(ctx, m, "requester-a")
	waitForTicket(t, st, "requester-a")
	assert.Equal(t, match.StateSearching, m.State("requester-a"))

	_, err := m.FindPartner(ctx, "requester-a", ident("requester-a"), nil)
	assert.ErrorIs(t, err, match.ErrSearchInProgress)

	cancel()
	<-aCh
}

func TestSelfTicketExcludedFromCandidates(t *testing.T) {
	st := newTestStore(t)
	m := newMatcher(st)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// A single waiting requester must never match its own ticket.
	aCh := findAsync(ctx, m, "requester-a")
	waitForTicket(t, st, "requester-a")

	select {
	case res := <-aCh:
		t.Fatalf("solo requester resolved unexpectedly: %+v, %v", res.match, res.err)
	case <-time.After(200 * time.Millisecond):
	}

	cancel()
	<-aCh
}

func TestTransientFailuresRetryWithStatus(t *testing.T) {
	st := newTestStore(t)
	flaky := &flakyStore{Store: st, failLists: 2}
	m := newMatcher(flaky)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	_, err := st.CreateTicket(ctx, "requester-b", ident("requester-b"))
	require.NoError(t, err)

	var mu sync.Mutex
	var updates []match.Update
	notify := func(u match.Update) {
		mu.Lock()
		updates = append(updates, u)
		mu.Unlock()
	}

	res, err := m.FindPartner(ctx, "requester-a", ident("requester-a"), notify)
	require.NoError(t, err)
	assert.Equal(t, "requester-b", res.PartnerID)

	mu.Lock()
	defer mu.Unlock()
	var retries int
	for _, u := range updates {
		if u.Kind == match.UpdateRetrying {
			retries++
		}
	}
	assert.Equal(t, 2, retries, "each transient failure surfaces a retrying update")
}

func TestRetriesExhausted(t *testing.T) {
	st := newTestStore(t)
	flaky := &flakyStore{Store: st, failLists: 100}
	m := newMatcher(flaky)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	_, err := m.FindPartner(ctx, "requester-a", ident("requester-a"), nil)
	assert.ErrorIs(t, err, match.ErrRetriesExhausted)
}

func TestHostRetriesInviteWriteAfterWinningTicket(t *testing.T) {
	st := newTestStore(t)
	flaky := &flakyStore{Store: st, failInvites: 1}
	m := newMatcher(flaky)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	_, err := st.CreateTicket(ctx, "requester-b", ident("requester-b"))
	require.NoError(t, err)

	// The ticket delete has been won by the time the invite write
	// fails; the matcher must retry the write, not restart the search.
	res, err := m.FindPartner(ctx, "requester-a", ident("requester-a"), nil)
	require.NoError(t, err)
	assert.Equal(t, "requester-b", res.PartnerID)
	assert.Equal(t, 1, flaky.inviteAttemptsFailed())
}

// flakyStore injects transient failures in front of a real store.
type flakyStore struct {
	store.Store

	mu          sync.Mutex
	failLists   int
	failInvites int
	invFailed   int
}

var errInjected = errors.New("injected store failure")

func (f *flakyStore) ListWaitingTickets(ctx context.Context) ([]*store.Ticket, error) {
	f.mu.Lock()
	if f.failLists > 0 {
		f.failLists--
		f.mu.Unlock()
		return nil, errInjected
	}
	f.mu.Unlock()
	return f.Store.ListWaitingTickets(ctx)
}

func (f *flakyStore) CreateInvite(ctx context.Context, inv *store.Invite) (*store.Invite, error) {
	f.mu.Lock()
	if f.failInvites > 0 {
		f.failInvites--
		f.invFailed++
		f.mu.Unlock()
		return nil, errInjected
	}
	f.mu.Unlock()
	return f.Store.CreateInvite(ctx, inv)
}

func (f *flakyStore) inviteAttemptsFailed() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.invFailed
}

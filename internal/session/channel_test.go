package session_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/driftchat/driftchat-server/internal/log"
	"github.com/driftchat/driftchat-server/internal/session"
	"github.com/driftchat/driftchat-server/internal/store"
	"github.com/driftchat/driftchat-server/internal/store/sqlite"
)

func newChannel(t *testing.T) (*session.Channel, *sqlite.SQLiteStore) {
	t.Helper()
	st, err := sqlite.New(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })
	return session.New(st, log.Nop()), st
}

func TestSendRejectsBlankText(t *testing.T) {
	ch, st := newChannel(t)
	ctx := context.Background()

	for _, text := range []string{"", "   ", "\n\t  "} {
		_, err := ch.Send(ctx, "room_a__b", "sender", "Sly Fox", text)
		assert.ErrorIs(t, err, session.ErrEmptyMessage, "text %q", text)
	}

	// The rejection happens before any store write.
	msgs, err := st.ListMessages(ctx, "room_a__b")
	require.NoError(t, err)
	assert.Empty(t, msgs)
}

func TestSendAssignsServerTimestamp(t *testing.T) {
	ch, _ := newChannel(t)
	ctx := context.Background()

	msg, err := ch.Send(ctx, "room_a__b", "sender-a", "Sly Fox", "hello")
	require.NoError(t, err)
	assert.NotEmpty(t, msg.ID)
	assert.False(t, msg.Pending(), "committed message carries a server timestamp")
}

func TestSubscribeDeliversFullOrderedSet(t *testing.T) {
	ch, _ := newChannel(t)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	const room = "room_a__b"
	_, err := ch.Send(ctx, room, "a", "A", "first")
	require.NoError(t, err)
	_, err = ch.Send(ctx, room, "b", "B", "second")
	require.NoError(t, err)

	feed, err := ch.Subscribe(ctx, room)
	require.NoError(t, err)
	defer feed.Close()

	// Initial emission carries the full current set.
	first := mustUpdate(t, feed)
	require.Len(t, first, 2)
	assert.Equal(t, "first", first[0].Text)
	assert.Equal(t, "second", first[1].Text)

	_, err = ch.Send(ctx, room, "a", "A", "third")
	require.NoError(t, err)

	// Later emissions are resorted full sets; earlier messages never
	// move to a later position.
	second := mustUpdate(t, feed)
	require.Len(t, second, 3)
	for i, m := range first {
		assert.Equal(t, m.ID, second[i].ID, "message order must be stable across emissions")
	}
	assert.Equal(t, "third", second[2].Text)

	for i := 1; i < len(second); i++ {
		assert.False(t, second[i].ServerTime.Before(second[i-1].ServerTime),
			"emissions must be non-decreasing in server time")
	}
}

func TestSubscribeIsolatesRooms(t *testing.T) {
	ch, _ := newChannel(t)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	_, err := ch.Send(ctx, "room_a__b", "a", "A", "ours")
	require.NoError(t, err)
	_, err = ch.Send(ctx, "room_c__d", "c", "C", "theirs")
	require.NoError(t, err)

	feed, err := ch.Subscribe(ctx, "room_a__b")
	require.NoError(t, err)
	defer feed.Close()

	msgs := mustUpdate(t, feed)
	require.Len(t, msgs, 1)
	assert.Equal(t, "ours", msgs[0].Text)
}

func TestFeedCloseIsIdempotent(t *testing.T) {
	ch, _ := newChannel(t)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	feed, err := ch.Subscribe(ctx, "room_a__b")
	require.NoError(t, err)

	assert.NoError(t, feed.Close())
	assert.NoError(t, feed.Close())

	done := make(chan struct{})
	go func() {
		// Close from a different goroutine than the subscriber.
		feed.Close()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Close blocked")
	}
}

func mustUpdate(t *testing.T, feed *session.Feed) []*store.Message {
	t.Helper()
	select {
	case msgs, ok := <-feed.Updates():
		require.True(t, ok, "feed closed unexpectedly")
		return msgs
	case <-time.After(2 * time.Second):
		t.Fatal("no feed update received")
		return nil
	}
}

package match

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestRoomIDSymmetric(t *testing.T) {
	pairs := [][2]string{
		{"alice", "bob"},
		{"bob", "alice"},
		{"2f1c", "9d4e"},
		{"same", "same"},
	}
	for _, p := range pairs {
		assert.Equal(t, RoomID(p[0], p[1]), RoomID(p[1], p[0]),
			"RoomID must not depend on argument order for %q/%q", p[0], p[1])
	}
}

func TestRoomIDDeterministic(t *testing.T) {
	assert.Equal(t, "room_alice__bob", RoomID("bob", "alice"))
	assert.Equal(t, "room_alice__bob", RoomID("alice", "bob"))
}

func TestRoomIDDistinctPairs(t *testing.T) {
	assert.NotEqual(t, RoomID("a", "b"), RoomID("a", "c"))
	assert.NotEqual(t, RoomID("a", "b"), RoomID("b", "c"))
}

package match

// roomPrefix and roomSeparator are fixed so both sides of a pairing
// derive the identifier without coordinating.
const (
	roomPrefix    = "room_"
	roomSeparator = "__"
)

// RoomID derives the shared room identifier for a pair of requesters.
// The two ids are ordered lexicographically before joining, so
// RoomID(a, b) == RoomID(b, a) and the host can compute the room before
// the guest has seen any invite.
func RoomID(a, b string) string {
	if b < a {
		a, b = b, a
	}
	return roomPrefix + a + roomSeparator + b
}

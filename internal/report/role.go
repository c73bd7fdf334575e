package report

import "time"

// Role tells whether the process emitting reports is a leaf SDK or a relay.
type Role int

const (
	// RoleLeaf is an event-producing client that is not an intermediary.
	RoleLeaf Role = iota
	// RoleRelay is an intermediary that forwards events and may itself rate
	// limit or filter them.
	RoleRelay
)

func (r Role) String() string {
	if r == RoleRelay {
		return "relay"
	}
	return "leaf"
}

// Role implements RoleProvider for a fixed role.
func (r Role) Role() Role {
	return r
}

// RoleProvider reports the current transport role.
type RoleProvider interface {
	Role() Role
}

// Clock supplies the current time.
type Clock interface {
	Now() time.Time
}

// ClockFunc adapts a function to the Clock interface.
type ClockFunc func() time.Time

// Now calls f.
func (f ClockFunc) Now() time.Time {
	return f()
}

// SystemClock is the Clock backed by time.Now.
var SystemClock Clock = ClockFunc(time.Now)

package state

import (
	"time"

	"github.com/MITBorg/titanirc-sub000/internal/hostmask"
	"github.com/MITBorg/titanirc-sub000/internal/irc"
)

// UserID is the durable identity assigned by the store at first
// authentication. It is stable across connections and nick changes.
type UserID int64

// User is the in-memory snapshot of an authenticated session, shared
// with channels as roster entries and with the router's directory.
type User struct {
	ID       UserID
	Nick     string
	Username string
	RealName string
	Cloak    string
	Away     string
	AuthedAt time.Time
}

// Prefix is the identity prefix stamped on lines this user originates.
func (u User) Prefix() irc.Prefix {
	return irc.Prefix{Name: u.Nick, User: u.Username, Host: u.Cloak}
}

// Mask is the concrete host mask the permission index is consulted with.
func (u User) Mask() hostmask.Mask {
	return hostmask.Mask{Nick: u.Nick, User: u.Username, Host: u.Cloak}
}

// Topic is a channel topic with its provenance. A zero Topic means the
// channel has none.
type Topic struct {
	Text  string
	Nick  string
	SetAt time.Time
}

// IsSet reports whether a topic has ever been set.
func (t Topic) IsSet() bool { return t.Nick != "" }

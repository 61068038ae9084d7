// Package state holds the value types shared between the session,
// channel, router and persistence layers: user snapshots, channel
// topics, and the permission lattice enforced on channel operations.
package state

// Permission is a rank on a channel. Ban sorts below Normal so that any
// positive grant matched alongside a ban wins a max-by-rank lookup.
// The integer values are the persisted representation.
type Permission int

const (
	PermBan     Permission = -1
	PermNormal  Permission = 0
	PermVoice   Permission = 1
	PermHalfOp  Permission = 100
	PermOp      Permission = 200
	PermFounder Permission = 300
)

// ParsePermission maps a persisted integer back onto a known rank.
// Unknown values collapse to the nearest lower known rank.
func ParsePermission(v int) Permission {
	switch {
	case v < 0:
		return PermBan
	case v >= int(PermFounder):
		return PermFounder
	case v >= int(PermOp):
		return PermOp
	case v >= int(PermHalfOp):
		return PermHalfOp
	case v >= int(PermVoice):
		return PermVoice
	default:
		return PermNormal
	}
}

// PermissionFromMode resolves a channel mode letter to the rank it
// grants, e.g. "+o nick". Returns false for mode letters the server
// does not implement.
func PermissionFromMode(mode byte) (Permission, bool) {
	switch mode {
	case 'b':
		return PermBan, true
	case 'v':
		return PermVoice, true
	case 'h':
		return PermHalfOp, true
	case 'o':
		return PermOp, true
	case 'q':
		return PermFounder, true
	default:
		return PermNormal, false
	}
}

func (p Permission) String() string {
	switch p {
	case PermBan:
		return "ban"
	case PermVoice:
		return "voice"
	case PermHalfOp:
		return "halfop"
	case PermOp:
		return "op"
	case PermFounder:
		return "founder"
	default:
		return "normal"
	}
}

// NamesPrefix is the sigil shown before a nick in RPL_NAMREPLY.
func (p Permission) NamesPrefix() string {
	switch p {
	case PermVoice:
		return "+"
	case PermHalfOp:
		return "%"
	case PermOp:
		return "@"
	case PermFounder:
		return "~"
	default:
		return ""
	}
}

// CanJoin reports whether the rank admits the user to the channel.
func (p Permission) CanJoin() bool { return p != PermBan }

// CanChatter reports whether the rank allows sending to the channel.
func (p Permission) CanChatter() bool { return p != PermBan }

// CanSetTopic reports whether the rank allows changing the topic.
func (p Permission) CanSetTopic() bool { return p >= PermHalfOp }

// CanKick reports whether the rank allows kicking members.
func (p Permission) CanKick() bool { return p >= PermHalfOp }

// CanSetPermission reports whether a holder of rank p may change a
// target from rank old to rank new. Both the granted rank and the
// target's current rank must be strictly below the grantor's.
func (p Permission) CanSetPermission(new, old Permission) bool {
	return p >= PermHalfOp && p > new && p > old
}

// Highest folds a permission lookup result down to the effective rank:
// the maximum of all matches, Normal when there are none.
func Highest(perms []Permission) Permission {
	best := PermNormal
	for i, p := range perms {
		if i == 0 || p > best {
			best = p
		}
	}
	return best
}

package state

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestPermissionOrdering(t *testing.T) {
	assert.True(t, PermBan < PermNormal)
	assert.True(t, PermNormal < PermVoice)
	assert.True(t, PermVoice < PermHalfOp)
	assert.True(t, PermHalfOp < PermOp)
	assert.True(t, PermOp < PermFounder)
}

func TestCapabilities(t *testing.T) {
	assert.False(t, PermBan.CanJoin())
	assert.False(t, PermBan.CanChatter())
	assert.True(t, PermNormal.CanJoin())
	assert.True(t, PermVoice.CanChatter())

	assert.False(t, PermVoice.CanSetTopic())
	assert.True(t, PermHalfOp.CanSetTopic())
	assert.True(t, PermOp.CanKick())
	assert.False(t, PermNormal.CanKick())
}

func TestCanSetPermission(t *testing.T) {
	assert.True(t, PermFounder.CanSetPermission(PermOp, PermNormal))
	// cannot grant at or above own rank
	assert.False(t, PermOp.CanSetPermission(PermFounder, PermNormal))
	assert.False(t, PermOp.CanSetPermission(PermOp, PermNormal))
	// strict > on the target's current rank too
	assert.False(t, PermHalfOp.CanSetPermission(PermHalfOp, PermNormal))
	assert.False(t, PermHalfOp.CanSetPermission(PermNormal, PermHalfOp))
	// below halfop, no granting at all
	assert.False(t, PermVoice.CanSetPermission(PermBan, PermNormal))
}

func TestHighest(t *testing.T) {
	assert.Equal(t, PermNormal, Highest(nil))
	assert.Equal(t, PermBan, Highest([]Permission{PermBan}))
	// a positive grant dominates a ban match
	assert.Equal(t, PermVoice, Highest([]Permission{PermBan, PermVoice}))
	assert.Equal(t, PermFounder, Highest([]Permission{PermOp, PermFounder, PermNormal}))
}

func TestParsePermissionRoundTrip(t *testing.T) {
	for _, p := range []Permission{PermBan, PermNormal, PermVoice, PermHalfOp, PermOp, PermFounder} {
		assert.Equal(t, p, ParsePermission(int(p)))
	}
}

func TestPermissionFromMode(t *testing.T) {
	for mode, want := range map[byte]Permission{'b': PermBan, 'v': PermVoice, 'h': PermHalfOp, 'o': PermOp, 'q': PermFounder} {
		got, ok := PermissionFromMode(mode)
		assert.True(t, ok)
		assert.Equal(t, want, got)
	}
	_, ok := PermissionFromMode('z')
	assert.False(t, ok)
}

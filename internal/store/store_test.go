package store

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/MITBorg/titanirc-sub000/internal/state"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(filepath.Join(t.TempDir(), "test.db"), time.Hour, zerolog.Nop(), nil)
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func TestMonotonicClock(t *testing.T) {
	now := int64(1000)
	c := &monotonicClock{now: func() int64 { return now }}

	assert.Equal(t, int64(1000), c.next())
	// same wall time mints a strictly larger id
	assert.Equal(t, int64(1001), c.next())

	// clock regression never goes backwards
	now = 500
	assert.Equal(t, int64(1002), c.next())

	now = 5000
	assert.Equal(t, int64(5000), c.next())
}

func TestPasswordHashRoundTrip(t *testing.T) {
	encoded, err := hashPassword("hunter2")
	require.NoError(t, err)

	ok, err := verifyPassword(encoded, "hunter2")
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = verifyPassword(encoded, "hunter3")
	require.NoError(t, err)
	assert.False(t, ok)

	_, err = verifyPassword("$bcrypt$nope", "hunter2")
	assert.ErrorIs(t, err, errMalformedHash)
}

func TestAuthenticateCreatesAndVerifies(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	id, err := s.Authenticate(ctx, "alice", "secret")
	require.NoError(t, err)
	require.NotZero(t, id)

	again, err := s.Authenticate(ctx, "alice", "secret")
	require.NoError(t, err)
	assert.Equal(t, id, again)

	_, err = s.Authenticate(ctx, "alice", "wrong")
	assert.ErrorIs(t, err, ErrBadCredentials)

	other, err := s.Authenticate(ctx, "bob", "secret")
	require.NoError(t, err)
	assert.NotEqual(t, id, other)
}

func TestReserveNick(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	alice, err := s.Authenticate(ctx, "alice", "pw")
	require.NoError(t, err)
	bob, err := s.Authenticate(ctx, "bob", "pw")
	require.NoError(t, err)

	ok, err := s.ReserveNick(ctx, alice, "xyz")
	require.NoError(t, err)
	assert.True(t, ok)

	// re-reserving an owned nick succeeds
	ok, err = s.ReserveNick(ctx, alice, "xyz")
	require.NoError(t, err)
	assert.True(t, ok)

	// someone else's nick is denied
	ok, err = s.ReserveNick(ctx, bob, "xyz")
	require.NoError(t, err)
	assert.False(t, ok)

	owner, found, err := s.LookupUserByNick(ctx, "xyz")
	require.NoError(t, err)
	assert.True(t, found)
	assert.Equal(t, alice, owner)

	_, found, err = s.LookupUserByNick(ctx, "nobody")
	require.NoError(t, err)
	assert.False(t, found)
}

func TestMembershipRoundTrip(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	alice, err := s.Authenticate(ctx, "alice", "pw")
	require.NoError(t, err)

	require.NoError(t, s.ChannelJoined(ctx, "#go", alice))
	// double join is an upsert no-op
	require.NoError(t, s.ChannelJoined(ctx, "#go", alice))
	require.NoError(t, s.ChannelJoined(ctx, "#rust", alice))

	chans, err := s.FetchUserChannels(ctx, alice)
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"#go", "#rust"}, chans)

	require.NoError(t, s.ChannelParted(ctx, "#rust", alice))
	chans, err = s.FetchUserChannels(ctx, alice)
	require.NoError(t, err)
	assert.Equal(t, []string{"#go"}, chans)
}

func TestMessageReplay(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	alice, err := s.Authenticate(ctx, "alice", "pw")
	require.NoError(t, err)
	bob, err := s.Authenticate(ctx, "bob", "pw")
	require.NoError(t, err)

	require.NoError(t, s.ChannelJoined(ctx, "#go", alice))
	require.NoError(t, s.ChannelJoined(ctx, "#go", bob))

	// bob witnesses m1 live; alice does not
	require.NoError(t, s.ChannelMessage(ctx, "#go", "bob!b@h", "m1", []state.UserID{bob}))
	require.NoError(t, s.ChannelMessage(ctx, "#go", "bob!b@h", "m2", nil))
	require.NoError(t, s.ChannelMessage(ctx, "#go", "bob!b@h", "m3", nil))

	unseen, err := s.FetchUnseenMessages(ctx, "#go", alice)
	require.NoError(t, err)
	require.Len(t, unseen, 3)
	assert.Equal(t, "m1", unseen[0].Message)
	assert.Equal(t, "m3", unseen[2].Message)
	assert.True(t, unseen[0].Timestamp < unseen[1].Timestamp)
	assert.True(t, unseen[1].Timestamp < unseen[2].Timestamp)

	// bob's read marker skips the witnessed line
	unseen, err = s.FetchUnseenMessages(ctx, "#go", bob)
	require.NoError(t, err)
	require.Len(t, unseen, 2)
	assert.Equal(t, "m2", unseen[0].Message)
}

func TestPermissionsPersistence(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	alice, err := s.Authenticate(ctx, "alice", "pw")
	require.NoError(t, err)
	ok, err := s.ReserveNick(ctx, alice, "alice")
	require.NoError(t, err)
	require.True(t, ok)

	require.NoError(t, s.SetUserChannelPermissions(ctx, "#go", alice, state.PermOp))

	perms, err := s.FetchAllUserChannelPermissions(ctx, "#go")
	require.NoError(t, err)
	require.Len(t, perms, 1)
	assert.Equal(t, "alice", perms[0].Nick)
	assert.Equal(t, state.PermOp, perms[0].Permission)
}

func TestKeyStable(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	k1, err := s.Key(ctx, "ip_salt")
	require.NoError(t, err)
	assert.Len(t, k1, 32)

	k2, err := s.Key(ctx, "ip_salt")
	require.NoError(t, err)
	assert.Equal(t, k1, k2)
}

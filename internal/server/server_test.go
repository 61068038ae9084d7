package server

import (
	"context"
	"net"
	"path/filepath"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/MITBorg/titanirc-sub000/internal/config"
	"github.com/MITBorg/titanirc-sub000/internal/irc"
	"github.com/MITBorg/titanirc-sub000/internal/store"
)

func startTestServer(t *testing.T) string {
	t.Helper()

	st, err := store.Open(filepath.Join(t.TempDir(), "server.db"), time.Hour, zerolog.Nop(), nil)
	require.NoError(t, err)

	cfg := &config.Config{
		ListenAddress:         "127.0.0.1:0",
		ServerName:            "irc.test",
		ClientThreads:         2,
		ChannelThreads:        2,
		MaxMessageReplaySince: time.Hour,
	}

	srv := New(cfg, st, NewCloaker([]byte("test-salt")), zerolog.Nop(), nil)
	require.NoError(t, srv.Start(context.Background()))
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		srv.Shutdown(ctx)
		st.Close()
	})

	return srv.listener.Addr().String()
}

type testConn struct {
	t      *testing.T
	conn   net.Conn
	reader *irc.Reader
	writer *irc.Writer
}

func dial(t *testing.T, addr string) *testConn {
	t.Helper()
	conn, err := net.Dial("tcp", addr)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	return &testConn{t: t, conn: conn, reader: irc.NewReader(conn), writer: irc.NewWriter(conn)}
}

func (c *testConn) send(line string) {
	c.t.Helper()
	require.NoError(c.t, c.writer.WriteRaw(line))
}

// expect reads until a line with the wanted command arrives, skipping
// unrelated traffic.
func (c *testConn) expect(command string) *irc.Message {
	c.t.Helper()
	c.conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	for {
		msg, err := c.reader.ReadMessage()
		require.NoError(c.t, err, "waiting for %s", command)
		if msg.Command == command {
			return msg
		}
	}
}

// expectBefore reads until stop arrives and fails if forbidden shows up
// first.
func (c *testConn) expectBefore(stop, forbidden string) {
	c.t.Helper()
	c.conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	for {
		msg, err := c.reader.ReadMessage()
		require.NoError(c.t, err)
		if msg.Command == forbidden {
			c.t.Fatalf("saw %s before %s: %v", forbidden, stop, msg)
		}
		if msg.Command == stop {
			return
		}
	}
}

// register connects and completes the CAP/SASL handshake as nick, with
// the account password equal to the nick.
func register(t *testing.T, addr, nick string) *testConn {
	t.Helper()
	c := dial(t, addr)
	c.send("CAP LS 302")
	c.send("NICK " + nick)
	c.send("USER " + nick + " 0 * :" + nick)
	c.expect(irc.CmdCap)
	c.send("AUTHENTICATE PLAIN")
	c.expect(irc.CmdAuthenticate)
	c.send("AUTHENTICATE " + plainBlob(nick, nick+"-password"))
	c.expect(irc.RplSaslSuccess)
	c.send("CAP END")
	c.expect(irc.RplWelcome)
	return c
}

func TestRegistrationPreamble(t *testing.T) {
	addr := startTestServer(t)

	c := dial(t, addr)
	c.send("CAP LS 302")
	c.send("NICK alice")
	c.send("USER alice 0 * :Alice")
	c.expect(irc.CmdCap)
	c.send("AUTHENTICATE PLAIN")
	c.expect(irc.CmdAuthenticate)
	c.send("AUTHENTICATE " + plainBlob("alice", "pw"))
	c.expect(irc.RplLoggedIn)
	c.expect(irc.RplSaslSuccess)
	c.send("CAP END")

	welcome := c.expect(irc.RplWelcome)
	assert.Equal(t, "alice", welcome.Param(0))
	c.expect(irc.RplYourHost)
	c.expect(irc.RplCreated)
	c.expect(irc.RplMyInfo)
	c.expect(irc.RplISupport)
	c.expect(irc.ErrNoMotd)
}

func TestChannelMessagingWithoutSelfEcho(t *testing.T) {
	addr := startTestServer(t)
	alice := register(t, addr, "alice")
	bob := register(t, addr, "bob")

	alice.send("JOIN #town")
	alice.expect(irc.RplEndOfNames)
	bob.send("JOIN #town")
	bob.expect(irc.RplEndOfNames)
	alice.expect(irc.CmdJoin) // bob's join broadcast

	bob.send("PRIVMSG #town :hello there")
	got := alice.expect(irc.CmdPrivmsg)
	assert.Equal(t, "bob", got.Prefix.Name)
	assert.Equal(t, "#town", got.Param(0))
	assert.Equal(t, "hello there", got.Text())

	// the sender must not receive its own line back
	bob.send("PING :echo-check")
	bob.expectBefore(irc.CmdPong, irc.CmdPrivmsg)
}

func TestDirectMessageAndUnknownNick(t *testing.T) {
	addr := startTestServer(t)
	alice := register(t, addr, "alice")
	bob := register(t, addr, "bob")

	alice.send("PRIVMSG bob :psst")
	got := bob.expect(irc.CmdPrivmsg)
	assert.Equal(t, "alice", got.Prefix.Name)
	assert.Equal(t, "psst", got.Text())

	alice.send("PRIVMSG nobody :anyone home")
	alice.expect(irc.ErrNoSuchNick)
}

func TestAwayNotifiesSender(t *testing.T) {
	addr := startTestServer(t)
	alice := register(t, addr, "alice")
	bob := register(t, addr, "bob")

	bob.send("AWAY :gone fishing")
	bob.expect(irc.RplNowAway)

	alice.send("PRIVMSG bob :you there?")
	away := alice.expect(irc.RplAway)
	assert.Equal(t, "gone fishing", away.Text())

	bob.send("AWAY")
	bob.expect(irc.RplUnaway)
}

func TestReplayOnReconnect(t *testing.T) {
	addr := startTestServer(t)
	alice := register(t, addr, "alice")
	bob := register(t, addr, "bob")

	alice.send("JOIN #log")
	alice.expect(irc.RplEndOfNames)
	bob.send("JOIN #log")
	bob.expect(irc.RplEndOfNames)
	alice.expect(irc.CmdJoin)

	bob.send("QUIT :brb")
	bob.expect(irc.CmdQuit)
	alice.expect(irc.CmdQuit)

	alice.send("PRIVMSG #log :missed me?")
	// wait for the line to land in history before reconnecting
	alice.send("PING :sync")
	alice.expect(irc.CmdPong)

	bob2 := register(t, addr, "bob")
	bob2.expect(irc.CmdJoin) // auto-rejoin
	replayed := bob2.expect(irc.CmdPrivmsg)
	assert.Equal(t, "alice", replayed.Prefix.Name)
	assert.Equal(t, "#log", replayed.Param(0))
	assert.Equal(t, "missed me?", replayed.Text())
}

func TestReplayPrecedesLiveTraffic(t *testing.T) {
	addr := startTestServer(t)
	alice := register(t, addr, "alice")
	bob := register(t, addr, "bob")

	alice.send("JOIN #feed")
	alice.expect(irc.RplEndOfNames)
	bob.send("JOIN #feed")
	bob.expect(irc.RplEndOfNames)
	alice.expect(irc.CmdJoin)

	bob.send("QUIT :brb")
	bob.expect(irc.CmdQuit)
	alice.expect(irc.CmdQuit)

	alice.send("PRIVMSG #feed :m4")
	alice.send("PRIVMSG #feed :m5")
	alice.send("PRIVMSG #feed :m6")
	alice.send("PING :sync")
	alice.expect(irc.CmdPong)

	// race a live message against the rejoin: whichever side of the join
	// the channel handles it on, the backlog arrives first and intact
	bob2 := register(t, addr, "bob")
	alice.send("PRIVMSG #feed :m7")

	bob2.expect(irc.CmdJoin)
	for _, want := range []string{"m4", "m5", "m6", "m7"} {
		got := bob2.expect(irc.CmdPrivmsg)
		assert.Equal(t, want, got.Text())
	}
}

func TestQuitEchoesQuitLine(t *testing.T) {
	addr := startTestServer(t)
	alice := register(t, addr, "alice")

	alice.send("QUIT :off to bed")
	got := alice.expect(irc.CmdQuit)
	assert.Equal(t, "Quit: off to bed", got.Text())
}

func TestReplacedSessionGetsError(t *testing.T) {
	addr := startTestServer(t)
	first := register(t, addr, "alice")
	register(t, addr, "alice")

	got := first.expect(irc.CmdError)
	assert.Equal(t, "Replaced by new connection", got.Text())
}

func TestBannedMaskCannotJoin(t *testing.T) {
	addr := startTestServer(t)
	alice := register(t, addr, "alice")

	alice.send("JOIN #gated")
	alice.expect(irc.RplEndOfNames)
	alice.send("MODE #gated +b evil!*@*")
	// once the PONG arrives the ban is queued ahead of any later join
	alice.send("PING :sync")
	alice.expect(irc.CmdPong)

	evil := register(t, addr, "evil")
	evil.send("JOIN #gated")
	evil.expect(irc.ErrBannedFromChan)
}

func TestTopicRequiresOperator(t *testing.T) {
	addr := startTestServer(t)
	alice := register(t, addr, "alice")
	bob := register(t, addr, "bob")

	alice.send("JOIN #ops")
	alice.expect(irc.RplEndOfNames)
	bob.send("JOIN #ops")
	bob.expect(irc.RplEndOfNames)
	alice.expect(irc.CmdJoin)

	// the founder may set the topic
	alice.send("TOPIC #ops :welcome all")
	topic := bob.expect(irc.CmdTopic)
	assert.Equal(t, "welcome all", topic.Text())

	// a plain member may not
	bob.send("TOPIC #ops :my topic now")
	bob.expect(irc.ErrChanOpPrivsNeeded)

	bob.send("TOPIC #ops")
	got := bob.expect(irc.RplTopic)
	assert.Equal(t, "welcome all", got.Text())
}

func TestKickRemovesMember(t *testing.T) {
	addr := startTestServer(t)
	alice := register(t, addr, "alice")
	bob := register(t, addr, "bob")

	alice.send("JOIN #strict")
	alice.expect(irc.RplEndOfNames)
	bob.send("JOIN #strict")
	bob.expect(irc.RplEndOfNames)
	alice.expect(irc.CmdJoin)

	alice.send("KICK #strict bob :rules are rules")
	kick := bob.expect(irc.CmdKick)
	assert.Equal(t, "bob", kick.Param(1))
	assert.Equal(t, "rules are rules", kick.Text())

	// membership is gone, messaging the channel now fails
	bob.send("PRIVMSG #strict :let me back in")
	bob.expect(irc.ErrCannotSendToChan)
}

func TestKickMultipleTargets(t *testing.T) {
	addr := startTestServer(t)
	alice := register(t, addr, "alice")
	bob := register(t, addr, "bob")
	carol := register(t, addr, "carol")

	alice.send("JOIN #sweep")
	alice.expect(irc.RplEndOfNames)
	bob.send("JOIN #sweep")
	bob.expect(irc.RplEndOfNames)
	carol.send("JOIN #sweep")
	carol.expect(irc.RplEndOfNames)

	alice.send("KICK #sweep bob,carol :housekeeping")
	kicked := bob.expect(irc.CmdKick)
	assert.Equal(t, "bob", kicked.Param(1))

	// carol sees bob's kick first, then her own
	kicked = carol.expect(irc.CmdKick)
	assert.Equal(t, "bob", kicked.Param(1))
	kicked = carol.expect(irc.CmdKick)
	assert.Equal(t, "carol", kicked.Param(1))

	bob.send("PRIVMSG #sweep :still here?")
	bob.expect(irc.ErrCannotSendToChan)
}

func TestNickChangePropagates(t *testing.T) {
	addr := startTestServer(t)
	alice := register(t, addr, "alice")
	bob := register(t, addr, "bob")

	alice.send("NICK alicia")
	change := bob.expect(irc.CmdNick)
	assert.Equal(t, "alice", change.Prefix.Name)
	assert.Equal(t, "alicia", change.Param(0))

	// the directory follows the rename
	bob.send("PRIVMSG alicia :still you?")
	got := alice.expect(irc.CmdPrivmsg)
	assert.Equal(t, "still you?", got.Text())
}

func TestNickReservedByOtherAccount(t *testing.T) {
	addr := startTestServer(t)
	register(t, addr, "alice")
	bob := register(t, addr, "bob")

	bob.send("NICK alice")
	bob.expect(irc.ErrNicknameInUse)
}

func TestNickRejectsBadSyntax(t *testing.T) {
	addr := startTestServer(t)
	alice := register(t, addr, "alice")

	alice.send("NICK #lounge")
	alice.expect(irc.ErrErroneousNickname)
	alice.send("NICK not!mine")
	alice.expect(irc.ErrErroneousNickname)

	// identity unchanged, the old nick still routes
	alice.send("PRIVMSG alice :self check")
	got := alice.expect(irc.CmdPrivmsg)
	assert.Equal(t, "self check", got.Text())
}

func TestListAggregatesChannels(t *testing.T) {
	addr := startTestServer(t)
	alice := register(t, addr, "alice")

	alice.send("JOIN #one,#two")
	alice.expect(irc.RplEndOfNames)
	alice.expect(irc.RplEndOfNames)

	alice.send("LIST")
	alice.expect(irc.RplListStart)
	seen := map[string]bool{}
	for i := 0; i < 2; i++ {
		row := alice.expect(irc.RplList)
		seen[row.Param(1)] = true
	}
	alice.expect(irc.RplListEnd)
	assert.True(t, seen["#one"] && seen["#two"], "got %v", seen)
}

func TestUnknownCommand(t *testing.T) {
	addr := startTestServer(t)
	alice := register(t, addr, "alice")

	alice.send("WALLOPS :everyone listen")
	got := alice.expect(irc.ErrUnknownCommand)
	assert.Equal(t, "WALLOPS", got.Param(1))
}

package server

import (
	"context"
	"encoding/base64"
	"net"
	"path/filepath"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/MITBorg/titanirc-sub000/internal/irc"
	"github.com/MITBorg/titanirc-sub000/internal/store"
)

func newTestStore(t *testing.T) *store.Store {
	t.Helper()
	st, err := store.Open(filepath.Join(t.TempDir(), "test.db"), time.Hour, zerolog.Nop(), nil)
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })
	return st
}

type negotiation struct {
	t      *testing.T
	peer   net.Conn
	reader *irc.Reader
	writer *irc.Writer
	result chan negotiationResult
}

type negotiationResult struct {
	conn InitiatedConnection
	err  error
}

// startNegotiation runs a negotiator against one end of a pipe and
// returns a driver for the client end. Pipe writes are synchronous, so
// the driver must read every server line before sending the next
// command.
func startNegotiation(t *testing.T, st *store.Store) *negotiation {
	t.Helper()

	client, server := net.Pipe()
	t.Cleanup(func() {
		client.Close()
		server.Close()
	})

	n := NewNegotiator(irc.NewReader(server), irc.NewWriter(server), st, "irc.test", zerolog.Nop(), nil)
	result := make(chan negotiationResult, 1)
	go func() {
		conn, err := n.Run(context.Background())
		result <- negotiationResult{conn: conn, err: err}
	}()

	return &negotiation{
		t:      t,
		peer:   client,
		reader: irc.NewReader(client),
		writer: irc.NewWriter(client),
		result: result,
	}
}

func (n *negotiation) send(line string) {
	n.t.Helper()
	require.NoError(n.t, n.writer.WriteRaw(line))
}

func (n *negotiation) expect(command string) *irc.Message {
	n.t.Helper()
	n.peer.SetReadDeadline(time.Now().Add(2 * time.Second))
	msg, err := n.reader.ReadMessage()
	require.NoError(n.t, err)
	require.Equal(n.t, command, msg.Command, "got %v", msg)
	return msg
}

func (n *negotiation) wait() negotiationResult {
	n.t.Helper()
	select {
	case r := <-n.result:
		return r
	case <-time.After(2 * time.Second):
		n.t.Fatal("negotiator never returned")
		return negotiationResult{}
	}
}

func plainBlob(username, password string) string {
	return base64.StdEncoding.EncodeToString([]byte(username + "\x00" + username + "\x00" + password))
}

func TestNegotiatorHappyPath(t *testing.T) {
	n := startNegotiation(t, newTestStore(t))

	n.send("NICK alice")
	n.send("USER alice 0 * :Alice Example")
	n.send("CAP LS 302")
	ls := n.expect(irc.CmdCap)
	assert.Contains(t, ls.Text(), "sasl=PLAIN")

	n.send("AUTHENTICATE PLAIN")
	n.expect(irc.CmdAuthenticate)

	n.send("AUTHENTICATE " + plainBlob("alice", "hunter2"))
	n.expect(irc.RplLoggedIn)
	n.expect(irc.RplSaslSuccess)

	n.send("CAP END")
	r := n.wait()
	require.NoError(t, r.err)
	assert.Equal(t, "alice", r.conn.Nick)
	assert.Equal(t, "alice", r.conn.Username)
	assert.Equal(t, "Alice Example", r.conn.RealName)
	assert.NotZero(t, r.conn.UserID)
}

func TestNegotiatorWrongPasswordThenRetry(t *testing.T) {
	st := newTestStore(t)

	ctx := context.Background()
	_, err := st.Authenticate(ctx, "alice", "correct")
	require.NoError(t, err)

	n := startNegotiation(t, st)
	n.send("NICK alice")
	n.send("USER alice 0 * :Alice")
	n.send("CAP LS 302")
	n.expect(irc.CmdCap)

	n.send("AUTHENTICATE PLAIN")
	n.expect(irc.CmdAuthenticate)
	n.send("AUTHENTICATE " + plainBlob("alice", "wrong"))
	n.expect(irc.ErrSaslFail)

	// a failed attempt must not end the session
	n.send("AUTHENTICATE PLAIN")
	n.expect(irc.CmdAuthenticate)
	n.send("AUTHENTICATE " + plainBlob("alice", "correct"))
	n.expect(irc.RplLoggedIn)
	n.expect(irc.RplSaslSuccess)

	n.send("CAP END")
	require.NoError(t, n.wait().err)
}

func TestNegotiatorAbortThenRetry(t *testing.T) {
	n := startNegotiation(t, newTestStore(t))

	n.send("NICK alice")
	n.send("USER alice 0 * :Alice")
	n.send("CAP LS 302")
	n.expect(irc.CmdCap)

	n.send("AUTHENTICATE PLAIN")
	n.expect(irc.CmdAuthenticate)
	n.send("AUTHENTICATE *")
	n.expect(irc.ErrSaslAborted)

	n.send("AUTHENTICATE PLAIN")
	n.expect(irc.CmdAuthenticate)
	n.send("AUTHENTICATE " + plainBlob("alice", "pw"))
	n.expect(irc.RplLoggedIn)
	n.expect(irc.RplSaslSuccess)

	n.send("CAP END")
	require.NoError(t, n.wait().err)
}

func TestNegotiatorCapEndWithoutAuthFails(t *testing.T) {
	n := startNegotiation(t, newTestStore(t))

	n.send("NICK alice")
	n.send("USER alice 0 * :Alice")
	n.send("CAP LS 302")
	n.expect(irc.CmdCap)

	n.send("CAP END")
	assert.Error(t, n.wait().err)
}

func TestNegotiatorRejectsUnknownMechanism(t *testing.T) {
	n := startNegotiation(t, newTestStore(t))

	n.send("NICK alice")
	n.send("USER alice 0 * :Alice")
	n.send("CAP LS 302")
	n.expect(irc.CmdCap)

	n.send("AUTHENTICATE EXTERNAL")
	n.expect(irc.RplSaslMechs)
	n.expect(irc.ErrSaslFail)

	// PLAIN still works afterwards
	n.send("AUTHENTICATE PLAIN")
	n.expect(irc.CmdAuthenticate)
	n.send("AUTHENTICATE " + plainBlob("alice", "pw"))
	n.expect(irc.RplLoggedIn)
	n.expect(irc.RplSaslSuccess)

	n.send("CAP END")
	require.NoError(t, n.wait().err)
}

func TestNegotiatorRejectsCommandsBeforeRegistration(t *testing.T) {
	n := startNegotiation(t, newTestStore(t))

	n.send("PRIVMSG #chaos :too early")
	assert.Error(t, n.wait().err)
}

func TestDecodePlain(t *testing.T) {
	tests := []struct {
		name    string
		blob    string
		user    string
		pass    string
		wantErr bool
	}{
		{name: "valid", blob: plainBlob("alice", "hunter2"), user: "alice", pass: "hunter2"},
		{name: "empty password ok", blob: plainBlob("alice", ""), user: "alice", pass: ""},
		{name: "not base64", blob: "!!!", wantErr: true},
		{name: "two parts", blob: base64.StdEncoding.EncodeToString([]byte("a\x00b")), wantErr: true},
		{name: "authzid mismatch", blob: base64.StdEncoding.EncodeToString([]byte("a\x00b\x00c")), wantErr: true},
		{name: "empty identity", blob: base64.StdEncoding.EncodeToString([]byte("\x00\x00pw")), wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			user, pass, err := decodePlain(tt.blob)
			if tt.wantErr {
				require.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.user, user)
			assert.Equal(t, tt.pass, pass)
		})
	}
}

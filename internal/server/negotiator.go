package server

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/MITBorg/titanirc-sub000/internal/irc"
	"github.com/MITBorg/titanirc-sub000/internal/metrics"
	"github.com/MITBorg/titanirc-sub000/internal/state"
	"github.com/MITBorg/titanirc-sub000/internal/store"
)

// negotiationTimeout bounds the whole capability/SASL exchange; a
// connection that has not registered by then is dropped.
const negotiationTimeout = 2 * time.Minute

var (
	errNegotiationFailed = errors.New("negotiation failed")
	errNoCapsRequested   = errors.New("client never negotiated capabilities")
	errUnauthenticated   = errors.New("CAP END without successful authentication")
)

// InitiatedConnection is the outcome of a successful negotiation: an
// authenticated identity ready to become a Client actor.
type InitiatedConnection struct {
	UserID   state.UserID
	Nick     string
	Username string
	RealName string
}

type negotiationState int

const (
	awaitPreamble negotiationState = iota
	awaitCaps
	awaitAuthBlob
	negotiationDone
)

// Negotiator drives one pending connection from raw stream to
// authenticated session. It owns no concurrency of its own; the
// acceptor runs it on the connection's goroutine.
type Negotiator struct {
	reader  *irc.Reader
	writer  *irc.Writer
	store   *store.Store
	logger  zerolog.Logger
	metrics *metrics.Registry

	serverName string

	state         negotiationState
	nick          string
	username      string
	realName      string
	userSet       bool
	capsRequested bool
	authed        bool
	userID        state.UserID
}

// NewNegotiator builds a negotiator over a framed connection.
func NewNegotiator(r *irc.Reader, w *irc.Writer, st *store.Store, serverName string, logger zerolog.Logger, reg *metrics.Registry) *Negotiator {
	return &Negotiator{
		reader:     r,
		writer:     w,
		store:      st,
		serverName: serverName,
		logger:     logger.With().Str("component", "negotiator").Logger(),
		metrics:    reg,
	}
}

// Run processes inbound messages until the session is authenticated or
// the exchange fails.
func (n *Negotiator) Run(ctx context.Context) (InitiatedConnection, error) {
	ctx, cancel := context.WithTimeout(ctx, negotiationTimeout)
	defer cancel()

	for n.state != negotiationDone {
		msg, err := n.reader.ReadMessage()
		if err != nil {
			return InitiatedConnection{}, fmt.Errorf("read during negotiation: %w", err)
		}

		if err := n.handle(ctx, msg); err != nil {
			return InitiatedConnection{}, err
		}
	}

	return InitiatedConnection{
		UserID:   n.userID,
		Nick:     n.nick,
		Username: n.username,
		RealName: n.realName,
	}, nil
}

func (n *Negotiator) handle(ctx context.Context, msg *irc.Message) error {
	switch n.state {
	case awaitPreamble:
		return n.handlePreamble(msg)
	case awaitCaps:
		return n.handleCaps(ctx, msg)
	case awaitAuthBlob:
		return n.handleAuthBlob(ctx, msg)
	}
	return errNegotiationFailed
}

func (n *Negotiator) handlePreamble(msg *irc.Message) error {
	switch msg.Command {
	case irc.CmdNick:
		if nick := msg.Param(0); irc.IsValidNick(nick) {
			n.nick = nick
		} else {
			n.write(reply(n.serverName, irc.ErrErroneousNickname, n.target(), nick, "Erroneous nickname"))
		}
	case irc.CmdUser:
		n.username = msg.Param(0)
		n.realName = msg.Text()
		n.userSet = true
	case irc.CmdCap:
		switch msg.Param(0) {
		case irc.CapLS, irc.CapList:
			n.capsRequested = true
			n.advertiseCaps()
		default:
			return n.reject(msg)
		}
	case irc.CmdPass, irc.CmdNotice:
		// tolerated and ignored before registration
	default:
		return n.reject(msg)
	}

	if n.nick != "" && n.userSet && n.capsRequested {
		n.state = awaitCaps
	}
	return nil
}

func (n *Negotiator) handleCaps(ctx context.Context, msg *irc.Message) error {
	switch msg.Command {
	case irc.CmdCap:
		switch msg.Param(0) {
		case irc.CapReq:
			args := msg.Trailing
			if args == "" && len(msg.Params) > 1 {
				args = strings.Join(msg.Params[1:], " ")
			}
			n.write(&irc.Message{
				Prefix:   irc.Prefix{Name: n.serverName},
				Command:  irc.CmdCap,
				Params:   []string{"*", irc.CapAck},
				Trailing: args,
			})
		case irc.CapLS, irc.CapList:
			n.advertiseCaps()
		case irc.CapEnd:
			if !n.authed {
				n.logger.Warn().Str("nick", n.nick).Msg("CAP END before authentication")
				return errUnauthenticated
			}
			n.state = negotiationDone
		default:
			return n.reject(msg)
		}
		return nil

	case irc.CmdAuthenticate:
		mech := msg.Param(0)
		if mech != "PLAIN" {
			n.write(reply(n.serverName, irc.RplSaslMechs, n.target(), "PLAIN", "are available SASL mechanisms"))
			n.write(reply(n.serverName, irc.ErrSaslFail, n.target(), "SASL authentication failed"))
			return nil
		}
		n.state = awaitAuthBlob
		n.write(&irc.Message{Command: irc.CmdAuthenticate, Params: []string{"+"}})
		return nil

	default:
		return n.reject(msg)
	}
}

func (n *Negotiator) handleAuthBlob(ctx context.Context, msg *irc.Message) error {
	if msg.Command != irc.CmdAuthenticate {
		return n.reject(msg)
	}

	blob := msg.Param(0)
	if blob == "" {
		blob = msg.Text()
	}

	if blob == "*" {
		n.state = awaitCaps
		n.write(reply(n.serverName, irc.ErrSaslAborted, n.target(), "SASL authentication aborted"))
		return nil
	}

	username, password, err := decodePlain(blob)
	if err != nil {
		n.failAuth(err)
		return nil
	}

	userID, err := n.store.Authenticate(ctx, username, password)
	switch {
	case errors.Is(err, store.ErrBadCredentials):
		n.failAuth(err)
		return nil
	case err != nil:
		// internal failure: surface to the acceptor, which closes
		return fmt.Errorf("authenticate %s: %w", username, err)
	}

	n.authed = true
	n.userID = userID
	if n.metrics != nil {
		n.metrics.AuthSuccesses.Inc()
	}
	n.username = username
	n.state = awaitCaps

	identity := n.nick + "!" + n.username + "@" + n.serverName
	n.write(reply(n.serverName, irc.RplLoggedIn, n.target(), identity, username,
		fmt.Sprintf("You are now logged in as %s", username)))
	n.write(reply(n.serverName, irc.RplSaslSuccess, n.target(), "SASL authentication successful"))

	n.logger.Info().Str("username", username).Str("nick", n.nick).Msg("SASL authentication succeeded")
	return nil
}

// decodePlain unpacks a SASL PLAIN payload: base64 of
// authzid NUL authnid NUL password, with authzid == authnid enforced.
func decodePlain(blob string) (username, password string, err error) {
	raw, err := base64.StdEncoding.DecodeString(blob)
	if err != nil {
		return "", "", fmt.Errorf("malformed base64: %w", err)
	}

	parts := strings.Split(string(raw), "\x00")
	if len(parts) != 3 {
		return "", "", errors.New("PLAIN payload must have three NUL-separated parts")
	}
	if parts[0] != parts[1] {
		return "", "", errors.New("authzid and authnid mismatch")
	}
	if parts[1] == "" {
		return "", "", errors.New("empty authentication identity")
	}

	return parts[1], parts[2], nil
}

func (n *Negotiator) failAuth(cause error) {
	n.logger.Warn().Err(cause).Str("nick", n.nick).Msg("SASL authentication failed")
	if n.metrics != nil {
		n.metrics.AuthFailures.Inc()
	}
	n.state = awaitCaps
	n.write(reply(n.serverName, irc.ErrSaslFail, n.target(), "SASL authentication failed"))
}

func (n *Negotiator) advertiseCaps() {
	n.write(&irc.Message{
		Prefix:   irc.Prefix{Name: n.serverName},
		Command:  irc.CmdCap,
		Params:   []string{"*", irc.CapLS},
		Trailing: "sasl=PLAIN",
	})
}

func (n *Negotiator) reject(msg *irc.Message) error {
	n.logger.Warn().Str("command", msg.Command).Int("state", int(n.state)).Msg("unexpected command during negotiation")
	return errNegotiationFailed
}

func (n *Negotiator) target() string {
	if n.nick != "" {
		return n.nick
	}
	return "*"
}

func (n *Negotiator) write(msg *irc.Message) {
	if err := n.writer.WriteMessage(msg); err != nil {
		n.logger.Debug().Err(err).Msg("negotiation write failed")
	}
}

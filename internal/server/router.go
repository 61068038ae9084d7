package server

import (
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/MITBorg/titanirc-sub000/internal/irc"
	"github.com/MITBorg/titanirc-sub000/internal/metrics"
	"github.com/MITBorg/titanirc-sub000/internal/state"
	"github.com/MITBorg/titanirc-sub000/internal/store"
)

// routerEvent is the message taxonomy of the Router actor.
type routerEvent interface{ routerEvent() }

type rUserConnected struct {
	client *Client
	user   state.User
}

type rDisconnect struct {
	client *Client
	nick   string
}

type rChannelHandle struct {
	name  string
	reply chan *Channel
}

type rNickChange struct {
	client *Client
	old    string
	user   state.User
}

// rUpdateUser refreshes the directory snapshot after a client changes
// session state the rest of the network can observe, such as AWAY.
type rUpdateUser struct {
	client *Client
	user   state.User
}

type rFetchByNick struct {
	nick  string
	reply chan clientLookup
}

type clientLookup struct {
	client *Client
	user   state.User
	ok     bool
}

type rChannels struct {
	reply chan []*Channel
}

type rMotd struct {
	client *Client
	nick   string
}

type rShutdown struct {
	done chan struct{}
}

func (rUserConnected) routerEvent() {}
func (rDisconnect) routerEvent()    {}
func (rChannelHandle) routerEvent() {}
func (rNickChange) routerEvent()    {}
func (rUpdateUser) routerEvent()    {}
func (rFetchByNick) routerEvent()   {}
func (rChannels) routerEvent()      {}
func (rMotd) routerEvent()          {}
func (rShutdown) routerEvent()      {}

type clientEntry struct {
	client *Client
	user   state.User
}

// Router is the rendezvous actor: it owns the nick directory and the
// live channel set. Everything else reaches clients and channels
// through handles resolved here.
type Router struct {
	mailbox *Mailbox[routerEvent]

	serverName string
	motd       string
	started    time.Time

	store       *store.Store
	logger      zerolog.Logger
	metrics     *metrics.Registry
	channelPool *WorkerPool

	// mailbox-owned state
	clients  map[string]clientEntry
	channels map[string]*Channel
}

// NewRouter spawns the router on its own single-worker pool so directory
// lookups never queue behind client or channel work.
func NewRouter(serverName, motd string, pool *WorkerPool, channelPool *WorkerPool, st *store.Store, logger zerolog.Logger, reg *metrics.Registry) *Router {
	r := &Router{
		serverName:  serverName,
		motd:        motd,
		started:     time.Now(),
		store:       st,
		logger:      logger.With().Str("component", "router").Logger(),
		metrics:     reg,
		channelPool: channelPool,
		clients:     make(map[string]clientEntry),
		channels:    make(map[string]*Channel),
	}
	r.mailbox = NewMailbox[routerEvent](pool, r.handle)
	return r
}

// Send enqueues an event for the router actor.
func (r *Router) Send(ev routerEvent) bool { return r.mailbox.Send(ev) }

func (r *Router) handle(ev routerEvent) {
	switch ev := ev.(type) {
	case rUserConnected:
		r.handleConnected(ev)
	case rDisconnect:
		if entry, ok := r.clients[ev.nick]; ok && entry.client == ev.client {
			delete(r.clients, ev.nick)
			if r.metrics != nil {
				r.metrics.ConnectedClients.Dec()
			}
		}
	case rChannelHandle:
		ev.reply <- r.channelHandle(ev.name)
	case rNickChange:
		r.handleNickChange(ev)
	case rUpdateUser:
		if entry, ok := r.clients[ev.user.Nick]; ok && entry.client == ev.client {
			r.clients[ev.user.Nick] = clientEntry{client: ev.client, user: ev.user}
		}
	case rFetchByNick:
		entry, ok := r.clients[ev.nick]
		ev.reply <- clientLookup{client: entry.client, user: entry.user, ok: ok}
	case rChannels:
		out := make([]*Channel, 0, len(r.channels))
		for _, ch := range r.channels {
			out = append(out, ch)
		}
		ev.reply <- out
	case rMotd:
		r.sendMotd(ev.client, ev.nick)
	case rShutdown:
		r.handleShutdown(ev)
	}
}

func (r *Router) handleConnected(ev rUserConnected) {
	// a live session already holding the nick is replaced by the new one
	if old, ok := r.clients[ev.user.Nick]; ok && old.client != ev.client {
		old.client.Stop("Replaced by new connection", false)
	}
	r.clients[ev.user.Nick] = clientEntry{client: ev.client, user: ev.user}
	if r.metrics != nil {
		r.metrics.ConnectedClients.Inc()
	}

	nick := ev.user.Nick
	r.deliver(ev.client, reply(r.serverName, irc.RplWelcome, nick,
		fmt.Sprintf("Welcome to the network %s", ev.user.Prefix().String())))
	r.deliver(ev.client, reply(r.serverName, irc.RplYourHost, nick,
		fmt.Sprintf("Your host is %s, running version %s", r.serverName, Version)))
	r.deliver(ev.client, reply(r.serverName, irc.RplCreated, nick,
		fmt.Sprintf("This server was created %s", r.started.Format(time.RFC1123))))
	r.deliver(ev.client, replyParams(r.serverName, irc.RplMyInfo, nick,
		r.serverName, Version, "iow", "bvhoq"))
	r.deliver(ev.client, reply(r.serverName, irc.RplISupport, nick,
		"CHANTYPES=# PREFIX=(qohv)~@%+ NETWORK="+r.serverName, "are supported by this server"))

	r.sendMotd(ev.client, nick)

	r.logger.Info().Str("nick", nick).Int64("user_id", int64(ev.user.ID)).Msg("client registered")
}

func (r *Router) handleNickChange(ev rNickChange) {
	if entry, ok := r.clients[ev.old]; ok && entry.client == ev.client {
		delete(r.clients, ev.old)
	}
	r.clients[ev.user.Nick] = clientEntry{client: ev.client, user: ev.user}

	// every connected session observes the rename; channel rosters are
	// updated by the renaming client itself
	line := &irc.Message{
		Prefix:  irc.Prefix{Name: ev.old, User: ev.user.Username, Host: ev.user.Cloak},
		Command: irc.CmdNick,
		Params:  []string{ev.user.Nick},
	}
	for _, entry := range r.clients {
		r.deliver(entry.client, line)
	}
}

func (r *Router) channelHandle(name string) *Channel {
	if ch, ok := r.channels[name]; ok {
		return ch
	}
	ch := NewChannel(name, r.serverName, r.channelPool, r.store, r.logger, r.metrics)
	r.channels[name] = ch
	if r.metrics != nil {
		r.metrics.LiveChannels.Set(float64(len(r.channels)))
	}
	r.logger.Info().Str("channel", name).Msg("channel spawned")
	return ch
}

func (r *Router) sendMotd(c *Client, nick string) {
	if r.motd == "" {
		r.deliver(c, reply(r.serverName, irc.ErrNoMotd, nick, "MOTD File is missing"))
		return
	}
	r.deliver(c, reply(r.serverName, irc.RplMotdStart, nick, fmt.Sprintf("- %s Message of the day - ", r.serverName)))
	for _, line := range splitLines(r.motd) {
		r.deliver(c, reply(r.serverName, irc.RplMotd, nick, "- "+line))
	}
	r.deliver(c, reply(r.serverName, irc.RplEndOfMotd, nick, "End of /MOTD command."))
}

func (r *Router) handleShutdown(ev rShutdown) {
	for _, entry := range r.clients {
		entry.client.Stop("Server shutting down", false)
	}
	r.clients = make(map[string]clientEntry)
	if r.metrics != nil {
		r.metrics.ConnectedClients.Set(0)
	}
	close(ev.done)
}

func (r *Router) deliver(c *Client, line *irc.Message) {
	if !c.Deliver(line) {
		r.logger.Debug().Str("command", line.Command).Msg("client mailbox closed")
	}
}

func splitLines(s string) []string {
	var out []string
	start := 0
	for i := 0; i < len(s); i++ {
		if s[i] == '\n' {
			line := s[start:i]
			if len(line) > 0 && line[len(line)-1] == '\r' {
				line = line[:len(line)-1]
			}
			out = append(out, line)
			start = i + 1
		}
	}
	if start < len(s) {
		out = append(out, s[start:])
	}
	return out
}

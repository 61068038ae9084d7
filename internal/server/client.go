package server

import (
	"context"
	"fmt"
	"net"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/sourcegraph/conc/iter"

	"github.com/MITBorg/titanirc-sub000/internal/irc"
	"github.com/MITBorg/titanirc-sub000/internal/metrics"
	"github.com/MITBorg/titanirc-sub000/internal/state"
	"github.com/MITBorg/titanirc-sub000/internal/store"
)

const (
	// pingInterval is how long a connection may be silent before the
	// server probes it.
	pingInterval = 30 * time.Second
	// pingTimeout is how long a connection may be silent before it is
	// declared dead.
	pingTimeout = 120 * time.Second
)

// clientEvent is the message taxonomy of the Client actor.
type clientEvent interface{ clientEvent() }

type evStarted struct{}

type evLine struct {
	msg *irc.Message
}

type evReadError struct {
	err error
}

type evTick struct{}

type evDeliver struct {
	line *irc.Message
}

type evKicked struct {
	channel string
}

type evStop struct {
	reason   string
	graceful bool
}

func (evStarted) clientEvent()   {}
func (evLine) clientEvent()      {}
func (evReadError) clientEvent() {}
func (evTick) clientEvent()      {}
func (evDeliver) clientEvent()   {}
func (evKicked) clientEvent()    {}
func (evStop) clientEvent()      {}

// Client is the per-connection actor. It owns the socket, the session
// identity and the set of joined channel handles. All mutation happens
// inside mailbox handlers, one event at a time.
type Client struct {
	mailbox *Mailbox[clientEvent]

	conn   net.Conn
	reader *irc.Reader
	writer *irc.Writer

	router  *Router
	store   *store.Store
	logger  zerolog.Logger
	metrics *metrics.Registry

	serverName string
	tickerStop chan struct{}
	sendq      chan *irc.Message
	pumpDone   chan struct{}

	// mailbox-owned state
	user         state.User
	channels     map[string]*Channel
	lastActivity time.Time
	stopped      bool
}

// NewClient wraps an authenticated connection in a client actor
// scheduled on the client pool. Call Start to register and begin
// serving.
func NewClient(conn net.Conn, reader *irc.Reader, writer *irc.Writer, user state.User, pool *WorkerPool, router *Router, st *store.Store, logger zerolog.Logger, reg *metrics.Registry, serverName string) *Client {
	c := &Client{
		conn:         conn,
		reader:       reader,
		writer:       writer,
		router:       router,
		store:        st,
		logger:       logger.With().Str("component", "client").Str("nick", user.Nick).Logger(),
		metrics:      reg,
		serverName:   serverName,
		tickerStop:   make(chan struct{}),
		sendq:        make(chan *irc.Message, 256),
		pumpDone:     make(chan struct{}),
		user:         user,
		channels:     make(map[string]*Channel),
		lastActivity: time.Now(),
	}
	c.mailbox = NewMailbox[clientEvent](pool, c.handle)
	return c
}

// Start registers the session and launches the read and liveness
// goroutines.
func (c *Client) Start() {
	c.mailbox.Send(evStarted{})

	go c.readLoop()
	go c.writePump()
	go c.tickLoop()
}

// Deliver enqueues one outbound line. Returns false once the session is
// gone.
func (c *Client) Deliver(line *irc.Message) bool {
	return c.mailbox.Send(evDeliver{line: line})
}

// Kicked tells the actor it was removed from a channel by an operator.
func (c *Client) Kicked(channel string) {
	c.mailbox.Send(evKicked{channel: channel})
}

// Stop disconnects the session. Graceful stops are client QUITs; the
// rest are server-initiated.
func (c *Client) Stop(reason string, graceful bool) {
	c.mailbox.Send(evStop{reason: reason, graceful: graceful})
}

func (c *Client) readLoop() {
	for {
		msg, err := c.reader.ReadMessage()
		if err != nil {
			c.mailbox.Send(evReadError{err: err})
			return
		}
		if !c.mailbox.Send(evLine{msg: msg}) {
			return
		}
	}
}

// writePump owns the socket for writing. It drains the send queue until
// shutdown closes it, then closes the connection.
func (c *Client) writePump() {
	defer close(c.pumpDone)
	defer c.conn.Close()

	for line := range c.sendq {
		c.conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
		if err := c.writer.WriteMessage(line); err != nil {
			c.logger.Debug().Err(err).Str("command", line.Command).Msg("write failed")
			return
		}
	}
}

func (c *Client) tickLoop() {
	t := time.NewTicker(pingInterval)
	defer t.Stop()
	for {
		select {
		case <-t.C:
			if !c.mailbox.Send(evTick{}) {
				return
			}
		case <-c.tickerStop:
			return
		}
	}
}

func (c *Client) handle(ev clientEvent) {
	if c.stopped {
		return
	}

	switch ev := ev.(type) {
	case evStarted:
		c.handleStarted()
	case evLine:
		c.lastActivity = time.Now()
		c.handleLine(ev.msg)
	case evReadError:
		c.logger.Debug().Err(ev.err).Msg("connection read failed")
		c.shutdown("Connection closed", false)
	case evTick:
		c.handleTick()
	case evDeliver:
		c.write(ev.line)
	case evKicked:
		delete(c.channels, ev.channel)
	case evStop:
		c.shutdown(ev.reason, ev.graceful)
	}
}

// handleStarted registers with the router and rejoins every channel the
// account was present in when it last disconnected, replaying unseen
// history.
func (c *Client) handleStarted() {
	c.router.Send(rUserConnected{client: c, user: c.user})

	ctx, cancel := context.WithTimeout(context.Background(), storeTimeout)
	names, err := c.store.FetchUserChannels(ctx, c.user.ID)
	cancel()
	if err != nil {
		c.logger.Error().Err(err).Msg("fetch channels for rejoin")
		return
	}
	for _, name := range names {
		c.joinChannel(name)
	}
}

func (c *Client) handleTick() {
	idle := time.Since(c.lastActivity)
	switch {
	case idle >= pingTimeout:
		c.shutdown(fmt.Sprintf("Ping timeout: %d seconds", int(pingTimeout.Seconds())), false)
	case idle >= pingInterval:
		c.write(serverMessage(c.serverName, irc.CmdPing, nil, c.serverName))
	}
}

func (c *Client) handleLine(msg *irc.Message) {
	// a client may only ever speak as itself
	if msg.Prefix.Name != "" && msg.Prefix.Name != c.user.Nick {
		c.logger.Warn().Str("claimed", msg.Prefix.Name).Msg("spoofed source prefix dropped")
		return
	}

	switch msg.Command {
	case irc.CmdPing:
		token := msg.Param(0)
		if token == "" {
			token = msg.Text()
		}
		c.write(serverMessage(c.serverName, irc.CmdPong, []string{c.serverName}, token))
	case irc.CmdPong:
		// activity timestamp already updated
	case irc.CmdNick:
		c.cmdNick(msg)
	case irc.CmdJoin:
		c.cmdJoin(msg)
	case irc.CmdPart:
		c.cmdPart(msg)
	case irc.CmdPrivmsg:
		c.cmdPrivmsg(msg)
	case irc.CmdNotice:
		// accepted and discarded
	case irc.CmdTopic:
		c.cmdTopic(msg)
	case irc.CmdNames:
		c.cmdNames(msg)
	case irc.CmdList:
		c.cmdList()
	case irc.CmdMode:
		c.cmdMode(msg)
	case irc.CmdKick:
		c.cmdKick(msg)
	case irc.CmdInvite:
		c.cmdInvite(msg)
	case irc.CmdAway:
		c.cmdAway(msg)
	case irc.CmdWho:
		c.cmdWho(msg)
	case irc.CmdUserhost:
		c.cmdUserhost(msg)
	case irc.CmdMotd:
		c.router.Send(rMotd{client: c, nick: c.user.Nick})
	case irc.CmdVersion:
		c.write(replyParams(c.serverName, irc.RplVersion, c.user.Nick, Version, c.serverName))
	case irc.CmdTime:
		c.write(reply(c.serverName, irc.RplTime, c.user.Nick, c.serverName, time.Now().Format(time.RFC1123)))
	case irc.CmdAuthenticate:
		c.write(reply(c.serverName, irc.ErrSaslAlready, c.user.Nick, "You have already authenticated using SASL"))
	case irc.CmdQuit:
		c.shutdown(msg.Text(), true)
	case irc.CmdCap:
		// post-registration CAP churn is ignored
	default:
		c.write(reply(c.serverName, irc.ErrUnknownCommand, c.user.Nick, msg.Command, "Unknown command"))
	}
}

func (c *Client) cmdNick(msg *irc.Message) {
	newNick := msg.Param(0)
	if newNick == "" {
		newNick = msg.Trailing
	}
	if newNick == "" {
		c.write(reply(c.serverName, irc.ErrNeedMoreParams, c.user.Nick, irc.CmdNick, "Not enough parameters"))
		return
	}
	if !irc.IsValidNick(newNick) {
		c.write(reply(c.serverName, irc.ErrErroneousNickname, c.user.Nick, newNick, "Erroneous nickname"))
		return
	}
	if newNick == c.user.Nick {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), storeTimeout)
	ok, err := c.store.ReserveNick(ctx, c.user.ID, newNick)
	cancel()
	if err != nil {
		c.logger.Error().Err(err).Str("nick", newNick).Msg("reserve nick")
		return
	}
	if !ok {
		c.write(reply(c.serverName, irc.ErrNicknameInUse, c.user.Nick, newNick, "Nickname is already in use"))
		return
	}

	old := c.user.Nick
	c.user.Nick = newNick
	c.logger.Info().Str("old", old).Str("new", newNick).Msg("nick changed")

	c.router.Send(rNickChange{client: c, old: old, user: c.user})
	for _, ch := range c.channels {
		ch.Send(chNickChange{client: c, user: c.user})
	}
}

func (c *Client) cmdJoin(msg *irc.Message) {
	if msg.Param(0) == "" {
		c.write(reply(c.serverName, irc.ErrNeedMoreParams, c.user.Nick, irc.CmdJoin, "Not enough parameters"))
		return
	}
	for _, name := range strings.Split(msg.Param(0), ",") {
		if !irc.IsChannelName(name) {
			c.write(reply(c.serverName, irc.ErrNoSuchChannel, c.user.Nick, name, "No such channel"))
			continue
		}
		c.joinChannel(name)
	}
}

// joinChannel resolves the channel actor and joins it. The channel
// delivers the join burst and any unseen history itself, atomically
// with roster admission.
func (c *Client) joinChannel(name string) {
	handle := make(chan *Channel, 1)
	if !c.router.Send(rChannelHandle{name: name, reply: handle}) {
		return
	}
	ch := <-handle

	res := make(chan error, 1)
	ch.Send(chJoin{client: c, user: c.user, reply: res})
	if err := <-res; err != nil {
		c.write(reply(c.serverName, irc.ErrBannedFromChan, c.user.Nick, name, "Cannot join channel (+b)"))
		return
	}
	c.channels[name] = ch
}

func (c *Client) cmdPart(msg *irc.Message) {
	if msg.Param(0) == "" {
		c.write(reply(c.serverName, irc.ErrNeedMoreParams, c.user.Nick, irc.CmdPart, "Not enough parameters"))
		return
	}
	reason := msg.Trailing
	if reason == "" {
		reason = msg.Param(1)
	}
	for _, name := range strings.Split(msg.Param(0), ",") {
		ch, ok := c.channels[name]
		if !ok {
			c.write(reply(c.serverName, irc.ErrNotOnChannel, c.user.Nick, name, "You're not on that channel"))
			continue
		}
		ch.Send(chPart{client: c, reason: reason})
		delete(c.channels, name)
	}
}

func (c *Client) cmdPrivmsg(msg *irc.Message) {
	target := msg.Param(0)
	text := msg.Trailing
	if text == "" && !msg.EmptyTrailing {
		text = msg.Param(1)
	}
	if target == "" || text == "" {
		c.write(reply(c.serverName, irc.ErrNeedMoreParams, c.user.Nick, msg.Command, "Not enough parameters"))
		return
	}

	if irc.IsChannelName(target) {
		ch, ok := c.channels[target]
		if !ok {
			c.write(reply(c.serverName, irc.ErrCannotSendToChan, c.user.Nick, target, "Cannot send to channel"))
			return
		}
		ch.Send(chMessage{client: c, text: text})
		if c.metrics != nil {
			c.metrics.MessagesRouted.Inc()
		}
		return
	}

	res := make(chan clientLookup, 1)
	if !c.router.Send(rFetchByNick{nick: target, reply: res}) {
		return
	}
	lookup := <-res
	if !lookup.ok {
		c.write(reply(c.serverName, irc.ErrNoSuchNick, c.user.Nick, target, "No such nick/channel"))
		return
	}

	lookup.client.Deliver(&irc.Message{
		Prefix:   c.user.Prefix(),
		Command:  irc.CmdPrivmsg,
		Params:   []string{target},
		Trailing: text,
	})
	if c.metrics != nil {
		c.metrics.MessagesRouted.Inc()
	}

	if lookup.user.Away != "" {
		c.write(reply(c.serverName, irc.RplAway, c.user.Nick, target, lookup.user.Away))
	}
}

func (c *Client) cmdTopic(msg *irc.Message) {
	name := msg.Param(0)
	ch, ok := c.channels[name]
	if !ok {
		c.write(reply(c.serverName, irc.ErrNotOnChannel, c.user.Nick, name, "You're not on that channel"))
		return
	}

	if msg.Trailing != "" || msg.EmptyTrailing {
		ch.Send(chSetTopic{client: c, text: msg.Trailing})
		return
	}

	res := make(chan state.Topic, 1)
	ch.Send(chGetTopic{reply: res})
	topic := <-res
	if !topic.IsSet() {
		c.write(reply(c.serverName, irc.RplNoTopic, c.user.Nick, name, "No topic is set"))
		return
	}
	c.write(reply(c.serverName, irc.RplTopic, c.user.Nick, name, topic.Text))
	c.write(replyParams(c.serverName, irc.RplTopicWhoTime, c.user.Nick, name, topic.Nick,
		strconv.FormatInt(topic.SetAt.Unix(), 10)))
}

func (c *Client) cmdNames(msg *irc.Message) {
	name := msg.Param(0)
	ch, ok := c.channels[name]
	if !ok {
		c.write(reply(c.serverName, irc.ErrNotOnChannel, c.user.Nick, name, "You're not on that channel"))
		return
	}

	res := make(chan []memberEntry, 1)
	ch.Send(chMembers{reply: res})
	members := <-res

	names := make([]string, 0, len(members))
	for _, m := range members {
		names = append(names, m.Perm.NamesPrefix()+m.User.Nick)
	}
	c.write(reply(c.serverName, irc.RplNamReply, c.user.Nick, "=", name, strings.Join(names, " ")))
	c.write(reply(c.serverName, irc.RplEndOfNames, c.user.Nick, name, "End of /NAMES list"))
}

// cmdList aggregates one snapshot per live channel. The per-channel
// queries fan out in parallel; only this client's actor blocks on them.
func (c *Client) cmdList() {
	res := make(chan []*Channel, 1)
	if !c.router.Send(rChannels{reply: res}) {
		return
	}
	channels := <-res

	infos := iter.Map(channels, func(ch **Channel) channelInfo {
		r := make(chan channelInfo, 1)
		if !(*ch).Send(chInfo{reply: r}) {
			return channelInfo{Name: (*ch).Name()}
		}
		return <-r
	})

	c.write(replyParams(c.serverName, irc.RplListStart, c.user.Nick, "Channel", "Users  Name"))
	for _, info := range infos {
		c.write(reply(c.serverName, irc.RplList, c.user.Nick, info.Name,
			strconv.Itoa(info.Members), info.Topic.Text))
	}
	c.write(reply(c.serverName, irc.RplListEnd, c.user.Nick, "End of /LIST"))
}

func (c *Client) cmdMode(msg *irc.Message) {
	target := msg.Param(0)
	if target == "" {
		c.write(reply(c.serverName, irc.ErrNeedMoreParams, c.user.Nick, irc.CmdMode, "Not enough parameters"))
		return
	}

	if !irc.IsChannelName(target) {
		if target == c.user.Nick {
			c.write(replyParams(c.serverName, irc.RplUmodeIs, c.user.Nick, "+i"))
		}
		return
	}

	ch, ok := c.channels[target]
	if !ok {
		c.write(reply(c.serverName, irc.ErrNotOnChannel, c.user.Nick, target, "You're not on that channel"))
		return
	}
	ch.Send(chMode{client: c, args: msg.Params[1:]})
}

func (c *Client) cmdKick(msg *irc.Message) {
	name, targets := msg.Param(0), msg.Param(1)
	if name == "" || targets == "" {
		c.write(reply(c.serverName, irc.ErrNeedMoreParams, c.user.Nick, irc.CmdKick, "Not enough parameters"))
		return
	}
	ch, ok := c.channels[name]
	if !ok {
		c.write(reply(c.serverName, irc.ErrNotOnChannel, c.user.Nick, name, "You're not on that channel"))
		return
	}
	reason := msg.Trailing
	if reason == "" {
		reason = msg.Param(2)
	}
	for _, target := range strings.Split(targets, ",") {
		ch.Send(chKick{client: c, targetNick: target, reason: reason})
	}
}

func (c *Client) cmdInvite(msg *irc.Message) {
	nick, name := msg.Param(0), msg.Param(1)
	if nick == "" || name == "" {
		c.write(reply(c.serverName, irc.ErrNeedMoreParams, c.user.Nick, irc.CmdInvite, "Not enough parameters"))
		return
	}
	ch, ok := c.channels[name]
	if !ok {
		c.write(reply(c.serverName, irc.ErrNotOnChannel, c.user.Nick, name, "You're not on that channel"))
		return
	}

	res := make(chan clientLookup, 1)
	if !c.router.Send(rFetchByNick{nick: nick, reply: res}) {
		return
	}
	lookup := <-res
	if !lookup.ok {
		c.write(reply(c.serverName, irc.ErrNoSuchNick, c.user.Nick, nick, "No such nick/channel"))
		return
	}
	ch.Send(chInvite{client: c, target: lookup.client, targetNick: nick})
}

func (c *Client) cmdAway(msg *irc.Message) {
	c.user.Away = msg.Text()

	if c.user.Away == "" {
		c.write(reply(c.serverName, irc.RplUnaway, c.user.Nick, "You are no longer marked as being away"))
	} else {
		c.write(reply(c.serverName, irc.RplNowAway, c.user.Nick, "You have been marked as being away"))
	}

	c.router.Send(rUpdateUser{client: c, user: c.user})
	for _, ch := range c.channels {
		ch.Send(chNickChange{client: c, user: c.user})
	}
}

func (c *Client) cmdWho(msg *irc.Message) {
	mask := msg.Param(0)
	ch, ok := c.channels[mask]
	if !ok {
		c.write(reply(c.serverName, irc.RplEndOfWho, c.user.Nick, mask, "End of /WHO list"))
		return
	}

	res := make(chan []memberEntry, 1)
	ch.Send(chMembers{reply: res})
	for _, m := range <-res {
		flags := "H"
		if m.User.Away != "" {
			flags = "G"
		}
		flags += m.Perm.NamesPrefix()
		c.write(reply(c.serverName, irc.RplWhoReply, c.user.Nick,
			mask, m.User.Username, m.User.Cloak, c.serverName, m.User.Nick, flags,
			"0 "+m.User.RealName))
	}
	c.write(reply(c.serverName, irc.RplEndOfWho, c.user.Nick, mask, "End of /WHO list"))
}

func (c *Client) cmdUserhost(msg *irc.Message) {
	var entries []string
	for i, nick := range msg.Params {
		if i >= 5 {
			break
		}
		res := make(chan clientLookup, 1)
		if !c.router.Send(rFetchByNick{nick: nick, reply: res}) {
			return
		}
		lookup := <-res
		if !lookup.ok {
			continue
		}
		entries = append(entries, fmt.Sprintf("%s=+%s@%s", lookup.user.Nick, lookup.user.Username, lookup.user.Cloak))
	}
	c.write(reply(c.serverName, irc.RplUserhost, c.user.Nick, strings.Join(entries, " ")))
}

// shutdown tears the session down exactly once: channels get the QUIT
// broadcast, the router drops the directory entry and the socket closes
// after a final ERROR line.
func (c *Client) shutdown(reason string, graceful bool) {
	if c.stopped {
		return
	}
	c.stopped = true

	quitReason := reason
	if graceful {
		if quitReason == "" {
			quitReason = "Client quit"
		}
		quitReason = "Quit: " + quitReason
	}
	for _, ch := range c.channels {
		ch.Send(chDisconnect{client: c, reason: quitReason})
	}
	c.channels = nil

	c.router.Send(rDisconnect{client: c, nick: c.user.Nick})

	// client-initiated quits are acknowledged with the QUIT line the rest
	// of the network sees; server-initiated closes carry a bare ERROR
	if graceful {
		c.write(&irc.Message{Prefix: c.user.Prefix(), Command: irc.CmdQuit, Trailing: quitReason})
	} else {
		c.write(&irc.Message{Command: irc.CmdError, Trailing: reason})
	}
	close(c.sendq)

	close(c.tickerStop)
	c.mailbox.Close()

	c.logger.Info().Str("reason", reason).Bool("graceful", graceful).Msg("client disconnected")
}

// write enqueues a line for the write pump. Only the actor handler
// produces, so the overflow check and the close in shutdown never race.
// A full queue means the peer has stopped reading; the line is dropped
// and the ping timeout reaps the session.
func (c *Client) write(line *irc.Message) {
	select {
	case c.sendq <- line:
	default:
		c.logger.Warn().Str("command", line.Command).Msg("send queue full, line dropped")
		if c.metrics != nil {
			c.metrics.LinesDropped.Inc()
		}
	}
}

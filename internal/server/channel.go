package server

import (
	"context"
	"errors"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/MITBorg/titanirc-sub000/internal/hostmask"
	"github.com/MITBorg/titanirc-sub000/internal/irc"
	"github.com/MITBorg/titanirc-sub000/internal/metrics"
	"github.com/MITBorg/titanirc-sub000/internal/state"
	"github.com/MITBorg/titanirc-sub000/internal/store"
)

// errBanned is the join refusal surfaced as ERR_BANNEDFROMCHAN.
var errBanned = errors.New("banned from channel")

// storeTimeout bounds the synchronous persistence calls made from
// actor handlers.
const storeTimeout = 5 * time.Second

// channelEvent is the message taxonomy of the Channel actor.
type channelEvent interface{ channelEvent() }

type chInit struct{}

type chJoin struct {
	client *Client
	user   state.User
	reply  chan error
}

type chPart struct {
	client *Client
	reason string
}

type chMessage struct {
	client *Client
	text   string
}

type chSetTopic struct {
	client *Client
	text   string
}

type chGetTopic struct {
	reply chan state.Topic
}

type memberEntry struct {
	User state.User
	Perm state.Permission
}

type chMembers struct {
	reply chan []memberEntry
}

type chInfo struct {
	reply chan channelInfo
}

type channelInfo struct {
	Name    string
	Topic   state.Topic
	Members int
}

type chKick struct {
	client     *Client
	targetNick string
	reason     string
}

type chMode struct {
	client *Client
	args   []string
}

type chNickChange struct {
	client *Client
	user   state.User
}

type chInvite struct {
	client     *Client
	target     *Client
	targetNick string
}

type chDisconnect struct {
	client *Client
	reason string
}

func (chInit) channelEvent()       {}
func (chJoin) channelEvent()       {}
func (chPart) channelEvent()       {}
func (chMessage) channelEvent()    {}
func (chSetTopic) channelEvent()   {}
func (chGetTopic) channelEvent()   {}
func (chMembers) channelEvent()    {}
func (chInfo) channelEvent()       {}
func (chKick) channelEvent()       {}
func (chMode) channelEvent()       {}
func (chNickChange) channelEvent() {}
func (chInvite) channelEvent()     {}
func (chDisconnect) channelEvent() {}

// Channel owns the roster, topic and permission index of one channel.
// All state lives behind the mailbox; handlers run one at a time.
type Channel struct {
	name       string
	serverName string

	mailbox *Mailbox[channelEvent]
	store   *store.Store
	logger  zerolog.Logger
	metrics *metrics.Registry

	// mailbox-owned state
	topic   state.Topic
	members map[*Client]state.User
	perms   *hostmask.Index[state.Permission]
}

// NewChannel spawns a channel actor on the channel pool and loads its
// persisted permission grants.
func NewChannel(name, serverName string, pool *WorkerPool, st *store.Store, logger zerolog.Logger, reg *metrics.Registry) *Channel {
	ch := &Channel{
		name:       name,
		serverName: serverName,
		store:      st,
		logger:     logger.With().Str("component", "channel").Str("channel", name).Logger(),
		metrics:    reg,
		members:    make(map[*Client]state.User),
		perms:      hostmask.NewIndex[state.Permission](),
	}
	ch.mailbox = NewMailbox[channelEvent](pool, ch.handle)
	ch.mailbox.Send(chInit{})
	return ch
}

// Name returns the immutable channel name.
func (ch *Channel) Name() string { return ch.name }

// Send enqueues an event for the channel actor.
func (ch *Channel) Send(ev channelEvent) bool { return ch.mailbox.Send(ev) }

func (ch *Channel) handle(ev channelEvent) {
	switch ev := ev.(type) {
	case chInit:
		ch.handleInit()
	case chJoin:
		ch.handleJoin(ev)
	case chPart:
		ch.handlePart(ev.client, irc.CmdPart, ev.reason, true)
	case chDisconnect:
		ch.handlePart(ev.client, irc.CmdQuit, ev.reason, false)
	case chMessage:
		ch.handleMessage(ev)
	case chSetTopic:
		ch.handleSetTopic(ev)
	case chGetTopic:
		ev.reply <- ch.topic
	case chMembers:
		ev.reply <- ch.memberSnapshot()
	case chInfo:
		ev.reply <- channelInfo{Name: ch.name, Topic: ch.topic, Members: len(ch.members)}
	case chKick:
		ch.handleKick(ev)
	case chMode:
		ch.handleMode(ev)
	case chNickChange:
		// roster update only; the router fans out the NICK line
		if _, ok := ch.members[ev.client]; ok {
			ch.members[ev.client] = ev.user
		}
	case chInvite:
		ch.handleInvite(ev)
	}
}

func (ch *Channel) handleInit() {
	ctx, cancel := context.WithTimeout(context.Background(), storeTimeout)
	defer cancel()

	if _, err := ch.store.EnsureChannel(ctx, ch.name); err != nil {
		ch.logger.Error().Err(err).Msg("ensure channel row")
	}

	grants, err := ch.store.FetchAllUserChannelPermissions(ctx, ch.name)
	if err != nil {
		ch.logger.Error().Err(err).Msg("load channel permissions")
		return
	}
	for _, g := range grants {
		// a grant follows the nick wherever it connects from
		ch.perms.Set(hostmask.Mask{Nick: g.Nick, User: "*", Host: "*"}, g.Permission)
	}
	ch.logger.Debug().Int("grants", len(grants)).Msg("channel permissions loaded")
}

// permissionFor resolves the effective rank of a concrete mask: the
// maximum over all matching grants, Normal when none match.
func (ch *Channel) permissionFor(mask hostmask.Mask) state.Permission {
	return state.Highest(ch.perms.Find(mask))
}

func (ch *Channel) handleJoin(ev chJoin) {
	// the first ever joiner founds the channel
	if len(ch.members) == 0 && ch.perms.Len() == 0 {
		mask := hostmask.Mask{Nick: ev.user.Nick, User: "*", Host: "*"}
		ch.perms.Set(mask, state.PermFounder)

		ctx, cancel := context.WithTimeout(context.Background(), storeTimeout)
		if err := ch.store.SetUserChannelPermissions(ctx, ch.name, ev.user.ID, state.PermFounder); err != nil {
			ch.logger.Error().Err(err).Str("nick", ev.user.Nick).Msg("persist founder grant")
		}
		cancel()
	}

	if !ch.permissionFor(ev.user.Mask()).CanJoin() {
		ev.reply <- errBanned
		return
	}

	// Snapshot unseen history before the roster changes. Once the member
	// is listed, the next message this actor persists would advance their
	// read marker past the backlog and lose it; fetching here, inside the
	// join handler, means no message can interleave.
	ctx, cancel := context.WithTimeout(context.Background(), storeTimeout)
	history, err := ch.store.FetchUnseenMessages(ctx, ch.name, ev.user.ID)
	cancel()
	if err != nil {
		ch.logger.Error().Err(err).Str("nick", ev.user.Nick).Msg("fetch unseen history")
	}

	_, rejoin := ch.members[ev.client]
	ch.members[ev.client] = ev.user

	// the joiner receives its own JOIN line too
	joinLine := &irc.Message{Prefix: ev.user.Prefix(), Command: irc.CmdJoin, Params: []string{ch.name}}
	ch.broadcast(joinLine, nil)

	ch.sendTopic(ev.client, ev.user.Nick, true)
	ch.sendNames(ev.client, ev.user.Nick)

	for _, h := range history {
		ch.deliver(ev.client, &irc.Message{
			Prefix:   irc.ParsePrefix(h.Sender),
			Command:  irc.CmdPrivmsg,
			Params:   []string{ch.name},
			Trailing: h.Message,
		})
	}
	if len(history) > 0 && ch.metrics != nil {
		ch.metrics.ReplayedMsgs.Add(float64(len(history)))
	}

	if !rejoin {
		ctx, cancel := context.WithTimeout(context.Background(), storeTimeout)
		defer cancel()
		if err := ch.store.ChannelJoined(ctx, ch.name, ev.user.ID); err != nil {
			ch.logger.Error().Err(err).Str("nick", ev.user.Nick).Msg("persist join")
		}
	}

	ev.reply <- nil
}

func (ch *Channel) handlePart(c *Client, command, reason string, persist bool) {
	user, ok := ch.members[c]
	if !ok {
		return
	}
	delete(ch.members, c)

	line := &irc.Message{Prefix: user.Prefix(), Command: command, Params: []string{ch.name}, Trailing: reason}
	if command == irc.CmdQuit {
		// QUIT carries no channel parameter and skips the leaver
		line.Params = nil
		ch.broadcast(line, nil)
	} else {
		ch.broadcast(line, nil)
		ch.deliver(c, line)
	}

	if persist {
		ctx, cancel := context.WithTimeout(context.Background(), storeTimeout)
		defer cancel()
		if err := ch.store.ChannelParted(ctx, ch.name, user.ID); err != nil {
			ch.logger.Error().Err(err).Str("nick", user.Nick).Msg("persist part")
		}
	}
}

func (ch *Channel) handleMessage(ev chMessage) {
	sender, ok := ch.members[ev.client]
	if !ok {
		ch.logger.Debug().Msg("message from non-member dropped")
		return
	}
	if !ch.permissionFor(sender.Mask()).CanChatter() {
		ch.deliver(ev.client, reply(ch.serverName, irc.ErrCannotSendToChan, sender.Nick, ch.name, "Cannot send to channel"))
		return
	}

	line := &irc.Message{
		Prefix:   sender.Prefix(),
		Command:  irc.CmdPrivmsg,
		Params:   []string{ch.name},
		Trailing: ev.text,
	}
	// no self-echo on PRIVMSG
	ch.broadcast(line, ev.client)

	receivers := make([]state.UserID, 0, len(ch.members))
	for _, u := range ch.members {
		receivers = append(receivers, u.ID)
	}

	ctx, cancel := context.WithTimeout(context.Background(), storeTimeout)
	defer cancel()
	if err := ch.store.ChannelMessage(ctx, ch.name, sender.Prefix().String(), ev.text, receivers); err != nil {
		ch.logger.Error().Err(err).Msg("persist message")
	}
}

func (ch *Channel) handleSetTopic(ev chSetTopic) {
	sender, ok := ch.members[ev.client]
	if !ok {
		return
	}
	if !ch.permissionFor(sender.Mask()).CanSetTopic() {
		ch.deliver(ev.client, reply(ch.serverName, irc.ErrChanOpPrivsNeeded, sender.Nick, ch.name, "You're not a channel operator"))
		return
	}

	ch.topic = state.Topic{Text: ev.text, Nick: sender.Nick, SetAt: time.Now()}

	ch.broadcast(&irc.Message{
		Prefix:   sender.Prefix(),
		Command:  irc.CmdTopic,
		Params:   []string{ch.name},
		Trailing: ev.text,
	}, nil)
}

func (ch *Channel) handleKick(ev chKick) {
	sender, ok := ch.members[ev.client]
	if !ok {
		return
	}
	if !ch.permissionFor(sender.Mask()).CanKick() {
		ch.deliver(ev.client, reply(ch.serverName, irc.ErrChanOpPrivsNeeded, sender.Nick, ch.name, "You're not a channel operator"))
		return
	}

	target, targetUser, ok := ch.memberByNick(ev.targetNick)
	if !ok {
		ch.logger.Debug().Str("target", ev.targetNick).Msg("kick target not in channel")
		return
	}

	reason := ev.reason
	if reason == "" {
		reason = sender.Nick
	}
	ch.broadcast(&irc.Message{
		Prefix:   sender.Prefix(),
		Command:  irc.CmdKick,
		Params:   []string{ch.name, targetUser.Nick},
		Trailing: reason,
	}, nil)

	// dedicated notification so the kicked client drops its handle
	target.Kicked(ch.name)
	delete(ch.members, target)

	ctx, cancel := context.WithTimeout(context.Background(), storeTimeout)
	defer cancel()
	if err := ch.store.ChannelParted(ctx, ch.name, targetUser.ID); err != nil {
		ch.logger.Error().Err(err).Str("nick", targetUser.Nick).Msg("persist kick")
	}
}

// handleMode applies +x/-x permission changes. A plain nick argument
// grants by nick (persisted against the target's account); an argument
// containing !/@ is treated as a raw mask grant, held in memory only
// since the schema keys permissions by user.
func (ch *Channel) handleMode(ev chMode) {
	sender, ok := ch.members[ev.client]
	if !ok {
		return
	}
	senderPerm := ch.permissionFor(sender.Mask())

	if len(ev.args) == 0 {
		ch.deliver(ev.client, replyParams(ch.serverName, irc.RplChannelModeIs, sender.Nick, ch.name, "+nt"))
		return
	}

	args := ev.args
	for len(args) > 0 {
		modes := args[0]
		args = args[1:]
		if len(modes) < 2 || (modes[0] != '+' && modes[0] != '-') {
			continue
		}
		grant := modes[0] == '+'

		for i := 1; i < len(modes); i++ {
			perm, known := state.PermissionFromMode(modes[i])
			if !known {
				continue
			}
			if len(args) == 0 {
				return
			}
			target := args[0]
			args = args[1:]

			if !grant {
				perm = state.PermNormal
			}
			ch.applyModeChange(ev.client, sender, senderPerm, target, perm)
		}
	}
}

func (ch *Channel) applyModeChange(c *Client, sender state.User, senderPerm state.Permission, target string, perm state.Permission) {
	if strings.ContainsAny(target, "!@") {
		mask, err := hostmask.Parse(target)
		if err != nil {
			ch.logger.Debug().Err(err).Str("mask", target).Msg("bad mode mask")
			return
		}
		old := state.Highest(ch.perms.Get(mask))
		if !senderPerm.CanSetPermission(perm, old) {
			ch.deliver(c, reply(ch.serverName, irc.ErrChanOpPrivsNeeded, sender.Nick, ch.name, "You're not a channel operator"))
			return
		}
		ch.perms.Set(mask, perm)
		return
	}

	_, targetUser, ok := ch.memberByNick(target)
	if !ok {
		ch.deliver(c, reply(ch.serverName, irc.ErrNoSuchNick, sender.Nick, target, "No such nick/channel"))
		return
	}

	mask := hostmask.Mask{Nick: targetUser.Nick, User: "*", Host: "*"}
	old := ch.permissionFor(targetUser.Mask())
	if !senderPerm.CanSetPermission(perm, old) {
		ch.deliver(c, reply(ch.serverName, irc.ErrChanOpPrivsNeeded, sender.Nick, ch.name, "You're not a channel operator"))
		return
	}

	ch.perms.Set(mask, perm)

	ctx, cancel := context.WithTimeout(context.Background(), storeTimeout)
	defer cancel()
	if err := ch.store.SetUserChannelPermissions(ctx, ch.name, targetUser.ID, perm); err != nil {
		ch.logger.Error().Err(err).Str("nick", targetUser.Nick).Msg("persist permissions")
	}

	ch.broadcast(&irc.Message{
		Prefix:  sender.Prefix(),
		Command: irc.CmdMode,
		Params:  []string{ch.name, modeString(perm), targetUser.Nick},
	}, nil)
}

func modeString(p state.Permission) string {
	switch p {
	case state.PermBan:
		return "+b"
	case state.PermVoice:
		return "+v"
	case state.PermHalfOp:
		return "+h"
	case state.PermOp:
		return "+o"
	case state.PermFounder:
		return "+q"
	default:
		return "-o"
	}
}

func (ch *Channel) handleInvite(ev chInvite) {
	sender, ok := ch.members[ev.client]
	if !ok {
		ch.deliver(ev.client, reply(ch.serverName, irc.ErrNotOnChannel, "*", ch.name, "You're not on that channel"))
		return
	}

	ch.deliver(ev.client, replyParams(ch.serverName, irc.RplInviting, sender.Nick, ev.targetNick, ch.name))
	ev.target.Deliver(&irc.Message{
		Prefix:   sender.Prefix(),
		Command:  irc.CmdInvite,
		Params:   []string{ev.targetNick},
		Trailing: ch.name,
	})
}

func (ch *Channel) sendTopic(c *Client, nick string, skipOnNone bool) {
	if !ch.topic.IsSet() {
		if !skipOnNone {
			ch.deliver(c, reply(ch.serverName, irc.RplTopic, nick, ch.name, "No topic is set"))
		}
		return
	}
	ch.deliver(c, reply(ch.serverName, irc.RplTopic, nick, ch.name, ch.topic.Text))
	ch.deliver(c, replyParams(ch.serverName, irc.RplTopicWhoTime, nick, ch.name, ch.topic.Nick,
		strconv.FormatInt(ch.topic.SetAt.Unix(), 10)))
}

func (ch *Channel) sendNames(c *Client, nick string) {
	names := make([]string, 0, len(ch.members))
	for _, u := range ch.members {
		names = append(names, ch.permissionFor(u.Mask()).NamesPrefix()+u.Nick)
	}
	ch.deliver(c, reply(ch.serverName, irc.RplNamReply, nick, "=", ch.name, strings.Join(names, " ")))
	ch.deliver(c, reply(ch.serverName, irc.RplEndOfNames, nick, ch.name, "End of /NAMES list"))
}

func (ch *Channel) memberSnapshot() []memberEntry {
	out := make([]memberEntry, 0, len(ch.members))
	for _, u := range ch.members {
		out = append(out, memberEntry{User: u, Perm: ch.permissionFor(u.Mask())})
	}
	return out
}

func (ch *Channel) memberByNick(nick string) (*Client, state.User, bool) {
	for c, u := range ch.members {
		if u.Nick == nick {
			return c, u, true
		}
	}
	return nil, state.User{}, false
}

// broadcast fans a line out to every member except skip, in roster
// iteration order. Each member's own mailbox serialises its writes.
func (ch *Channel) broadcast(line *irc.Message, skip *Client) {
	for c := range ch.members {
		if c == skip {
			continue
		}
		ch.deliver(c, line)
	}
	if ch.metrics != nil {
		ch.metrics.Broadcasts.Inc()
	}
}

// deliver enqueues one line to one client, logging mailbox refusal.
func (ch *Channel) deliver(c *Client, line *irc.Message) {
	if !c.Deliver(line) {
		ch.logger.Debug().Str("command", line.Command).Msg("member mailbox closed, peer presumed gone")
	}
}

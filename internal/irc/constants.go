package irc

// Commands consumed or emitted by the server.
const (
	CmdAuthenticate = "AUTHENTICATE"
	CmdAway         = "AWAY"
	CmdCap          = "CAP"
	CmdError        = "ERROR"
	CmdInvite       = "INVITE"
	CmdJoin         = "JOIN"
	CmdKick         = "KICK"
	CmdList         = "LIST"
	CmdMode         = "MODE"
	CmdMotd         = "MOTD"
	CmdNames        = "NAMES"
	CmdNick         = "NICK"
	CmdNotice       = "NOTICE"
	CmdPart         = "PART"
	CmdPass         = "PASS"
	CmdPing         = "PING"
	CmdPong         = "PONG"
	CmdPrivmsg      = "PRIVMSG"
	CmdQuit         = "QUIT"
	CmdTime         = "TIME"
	CmdTopic        = "TOPIC"
	CmdUser         = "USER"
	CmdUserhost     = "USERHOST"
	CmdVersion      = "VERSION"
	CmdWho          = "WHO"
)

// CAP subcommands.
const (
	CapLS   = "LS"
	CapList = "LIST"
	CapReq  = "REQ"
	CapAck  = "ACK"
	CapEnd  = "END"
)

// Numeric replies. Names follow the RFC/IRCv3 registry.
const (
	RplWelcome       = "001"
	RplYourHost      = "002"
	RplCreated       = "003"
	RplMyInfo        = "004"
	RplISupport      = "005"
	RplUmodeIs       = "221"
	RplAway          = "301"
	RplUserhost      = "302"
	RplUnaway        = "305"
	RplNowAway       = "306"
	RplListStart     = "321"
	RplList          = "322"
	RplListEnd       = "323"
	RplChannelModeIs = "324"
	RplNoTopic       = "331"
	RplTopic         = "332"
	RplTopicWhoTime  = "333"
	RplInviting      = "341"
	RplVersion       = "351"
	RplWhoReply      = "352"
	RplNamReply      = "353"
	RplEndOfNames    = "366"
	RplEndOfWho      = "315"
	RplMotd          = "372"
	RplMotdStart     = "375"
	RplEndOfMotd     = "376"
	RplTime          = "391"

	ErrNoSuchNick        = "401"
	ErrNoSuchChannel     = "403"
	ErrCannotSendToChan  = "404"
	ErrUnknownCommand    = "421"
	ErrNoMotd            = "422"
	ErrErroneousNickname = "432"
	ErrNicknameInUse     = "433"
	ErrNotOnChannel      = "442"
	ErrNeedMoreParams    = "461"
	ErrBannedFromChan    = "474"
	ErrChanOpPrivsNeeded = "482"

	RplLoggedIn    = "900"
	RplSaslSuccess = "903"
	ErrSaslFail    = "904"
	ErrSaslTooLong = "905"
	ErrSaslAborted = "906"
	ErrSaslAlready = "907"
	RplSaslMechs   = "908"
)

// IsChannelName reports whether target names a channel rather than a nick.
func IsChannelName(target string) bool {
	return len(target) > 1 && target[0] == '#'
}

// MaxNickLength is the longest nick the server accepts.
const MaxNickLength = 30

// IsValidNick reports whether s is well-formed nick syntax: a letter or
// special character followed by letters, digits, specials or hyphens.
func IsValidNick(s string) bool {
	if len(s) == 0 || len(s) > MaxNickLength {
		return false
	}
	for i := 0; i < len(s); i++ {
		c := s[i]
		switch {
		case c >= 'A' && c <= 'Z', c >= 'a' && c <= 'z', isNickSpecial(c):
		case c >= '0' && c <= '9', c == '-':
			if i == 0 {
				return false
			}
		default:
			return false
		}
	}
	return true
}

func isNickSpecial(c byte) bool {
	switch c {
	case '[', ']', '\\', '`', '_', '^', '{', '|', '}':
		return true
	}
	return false
}

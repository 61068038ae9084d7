package server

import (
	"github.com/MITBorg/titanirc-sub000/internal/irc"
)

// Version reported by VERSION and RPL_MYINFO.
const Version = "titanircd-0.1.0"

// reply builds a numeric addressed to a client, prefixed with the
// server name. The last param is carried as trailing text.
func reply(serverName, code, target string, params ...string) *irc.Message {
	m := &irc.Message{
		Prefix:  irc.Prefix{Name: serverName},
		Command: code,
		Params:  []string{target},
	}
	if len(params) > 0 {
		m.Params = append(m.Params, params[:len(params)-1]...)
		m.Trailing = params[len(params)-1]
		if m.Trailing == "" {
			m.EmptyTrailing = true
		}
	}
	return m
}

// replyParams builds a numeric whose arguments are all positional, with
// no trailing text.
func replyParams(serverName, code, target string, params ...string) *irc.Message {
	return &irc.Message{
		Prefix:  irc.Prefix{Name: serverName},
		Command: code,
		Params:  append([]string{target}, params...),
	}
}

// serverMessage builds a non-numeric command line from the server.
func serverMessage(serverName, command string, params []string, trailing string) *irc.Message {
	return &irc.Message{
		Prefix:   irc.Prefix{Name: serverName},
		Command:  command,
		Params:   params,
		Trailing: trailing,
	}
}

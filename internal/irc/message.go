// Package irc implements the line-oriented IRC wire format used by the
// server: parsing and serialising RFC 1459 style messages, the command and
// numeric tables, and a framed reader/writer over a TCP stream.
package irc

import (
	"bytes"
	"strings"
)

const (
	byteColon = 0x3A // prefix marker and trailing-argument marker
	byteBang  = 0x21 // separates nick from user in a prefix
	byteAt    = 0x40 // separates user from host in a prefix
	byteSpace = 0x20

	// MaxLineLength is the RFC 2812 limit excluding CRLF. Outbound lines
	// are truncated to this; inbound lines are tolerated up to
	// MaxInboundLength before the reader drops them.
	MaxLineLength    = 510
	MaxInboundLength = 1024
)

// Prefix is the source of a message: <servername> | <nick>['!'<user>]['@'<host>].
type Prefix struct {
	Name string
	User string
	Host string
}

// ParsePrefix splits a raw prefix (without the leading colon) into its
// nick, user and host parts. Missing parts are left empty.
func ParsePrefix(raw string) Prefix {
	var p Prefix

	user := strings.IndexByte(raw, byteBang)
	host := strings.IndexByte(raw, byteAt)

	switch {
	case user > 0 && host > user:
		p.Name = raw[:user]
		p.User = raw[user+1 : host]
		p.Host = raw[host+1:]
	case user > 0:
		p.Name = raw[:user]
		p.User = raw[user+1:]
	case host > 0:
		p.Name = raw[:host]
		p.Host = raw[host+1:]
	default:
		p.Name = raw
	}

	return p
}

// IsZero reports whether the prefix carries no source at all.
func (p Prefix) IsZero() bool {
	return p.Name == "" && p.User == "" && p.Host == ""
}

// IsHostmask reports whether the prefix looks like a full nick!user@host.
func (p Prefix) IsHostmask() bool {
	return p.User != "" && p.Host != ""
}

// IsServer reports whether the prefix is a bare server name.
func (p Prefix) IsServer() bool {
	return p.Name != "" && p.User == "" && p.Host == ""
}

func (p Prefix) writeTo(buf *bytes.Buffer) {
	buf.WriteString(p.Name)
	if p.User != "" {
		buf.WriteByte(byteBang)
		buf.WriteString(p.User)
	}
	if p.Host != "" {
		buf.WriteByte(byteAt)
		buf.WriteString(p.Host)
	}
}

// String renders the prefix in wire form, without the leading colon.
func (p Prefix) String() string {
	var buf bytes.Buffer
	p.writeTo(&buf)
	return buf.String()
}

// Message is one parsed IRC line:
//
//	[':' <prefix> ' '] <command> {' ' <param>} [' :' <trailing>]
//
// Trailing is kept separate from Params so that free text containing
// spaces round-trips; EmptyTrailing forces the ':' marker even when the
// trailing text is empty (e.g. "TOPIC #c :").
type Message struct {
	Prefix        Prefix
	Command       string
	Params        []string
	Trailing      string
	EmptyTrailing bool
}

func cutset(r rune) bool {
	return r == '\r' || r == '\n'
}

// ParseMessage parses a single raw line. Returns nil for lines that carry
// no command. Commands are uppercased; numerics pass through untouched.
func ParseMessage(raw string) *Message {
	raw = strings.TrimFunc(raw, cutset)
	if len(raw) < 2 {
		return nil
	}

	m := new(Message)
	i, j := 0, 0

	if raw[0] == byteColon {
		i = strings.IndexByte(raw, byteSpace)
		// a bare ":" with no prefix body is not a valid line
		if i < 2 {
			return nil
		}
		m.Prefix = ParsePrefix(raw[1:i])
		i++
	}

	j = strings.IndexByte(raw[i:], byteSpace)
	if j < 0 {
		m.Command = strings.ToUpper(raw[i:])
		return m
	}
	j += i

	m.Command = strings.ToUpper(raw[i:j])
	j++
	if j >= len(raw) {
		return m
	}

	// locate the trailing marker: " :" after the command
	t := strings.Index(raw[j:], " :")
	switch {
	case raw[j] == byteColon:
		m.Trailing = raw[j+1:]
		m.EmptyTrailing = m.Trailing == ""
	case t < 0:
		m.Params = splitParams(raw[j:])
	default:
		m.Params = splitParams(raw[j : j+t])
		m.Trailing = raw[j+t+2:]
		if m.Trailing == "" {
			m.EmptyTrailing = true
		}
	}

	return m
}

func splitParams(s string) []string {
	fields := strings.Split(s, " ")
	out := fields[:0]
	for _, f := range fields {
		if f != "" {
			out = append(out, f)
		}
	}
	if len(out) == 0 {
		return nil
	}
	return out
}

// Param returns the i'th parameter, or empty if absent.
func (m *Message) Param(i int) string {
	if i < 0 || i >= len(m.Params) {
		return ""
	}
	return m.Params[i]
}

// Text returns the free-text payload of the message: the trailing
// argument if present, otherwise the last positional parameter.
func (m *Message) Text() string {
	if m.Trailing != "" || m.EmptyTrailing {
		return m.Trailing
	}
	if len(m.Params) > 0 {
		return m.Params[len(m.Params)-1]
	}
	return ""
}

// Bytes renders the message in wire form without CRLF, truncated to
// MaxLineLength.
func (m *Message) Bytes() []byte {
	var buf bytes.Buffer

	if !m.Prefix.IsZero() {
		buf.WriteByte(byteColon)
		m.Prefix.writeTo(&buf)
		buf.WriteByte(byteSpace)
	}

	buf.WriteString(m.Command)

	for _, p := range m.Params {
		buf.WriteByte(byteSpace)
		buf.WriteString(p)
	}

	if m.Trailing != "" || m.EmptyTrailing {
		buf.WriteByte(byteSpace)
		buf.WriteByte(byteColon)
		buf.WriteString(m.Trailing)
	}

	if buf.Len() > MaxLineLength {
		buf.Truncate(MaxLineLength)
	}

	return buf.Bytes()
}

// String renders the message in wire form without CRLF.
func (m *Message) String() string {
	return string(m.Bytes())
}

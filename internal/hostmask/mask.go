// Package hostmask implements nick!user@host patterns and a wildcard
// trie index used for channel bans and permission grants. Each of the
// three segments is either a literal or a literal with a single trailing
// '*' that matches any suffix.
package hostmask

import (
	"errors"
	"fmt"
	"strings"
)

// Parse errors.
var (
	ErrBadSyntax     = errors.New("hostmask: expected nick!user@host")
	ErrEmptySegment  = errors.New("hostmask: empty segment")
	ErrStrayWildcard = errors.New("hostmask: '*' allowed once per segment, as final character")
)

// Mask is a parsed nick!user@host pattern.
type Mask struct {
	Nick string
	User string
	Host string
}

// Parse validates and splits a wire-form mask. Each segment must be
// non-empty and may end with at most one '*'.
func Parse(raw string) (Mask, error) {
	bang := strings.IndexByte(raw, '!')
	if bang < 0 {
		return Mask{}, ErrBadSyntax
	}
	at := strings.IndexByte(raw[bang+1:], '@')
	if at < 0 {
		return Mask{}, ErrBadSyntax
	}
	at += bang + 1

	m := Mask{
		Nick: raw[:bang],
		User: raw[bang+1 : at],
		Host: raw[at+1:],
	}

	for _, seg := range []string{m.Nick, m.User, m.Host} {
		if err := checkSegment(seg); err != nil {
			return Mask{}, fmt.Errorf("%w: %q", err, raw)
		}
	}

	return m, nil
}

// MustParse is Parse for masks known valid at compile time; it panics on
// error and is intended for tests and static tables.
func MustParse(raw string) Mask {
	m, err := Parse(raw)
	if err != nil {
		panic(err)
	}
	return m
}

func checkSegment(seg string) error {
	if seg == "" {
		return ErrEmptySegment
	}
	if i := strings.IndexByte(seg, '*'); i >= 0 && i != len(seg)-1 {
		return ErrStrayWildcard
	}
	if strings.Count(seg, "*") > 1 {
		return ErrStrayWildcard
	}
	return nil
}

// String renders the mask in wire form.
func (m Mask) String() string {
	return m.Nick + "!" + m.User + "@" + m.Host
}

// segments returns the match segments in trie order.
func (m Mask) segments() [3]string {
	return [3]string{m.Nick, m.User, m.Host}
}

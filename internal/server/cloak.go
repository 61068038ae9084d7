package server

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"net"
)

// Cloaker derives the stable displayable host shown in identity
// prefixes. The peer IP is keyed through HMAC-SHA256 under the
// persisted ip_salt so the cloak survives reconnects without exposing
// the address.
type Cloaker struct {
	salt []byte
}

// NewCloaker wraps the persisted salt.
func NewCloaker(salt []byte) *Cloaker {
	return &Cloaker{salt: salt}
}

// Cloak maps a remote address to its displayable host.
func (c *Cloaker) Cloak(addr net.Addr) string {
	host, _, err := net.SplitHostPort(addr.String())
	if err != nil {
		host = addr.String()
	}

	mac := hmac.New(sha256.New, c.salt)
	mac.Write([]byte(host))
	sum := mac.Sum(nil)

	return hex.EncodeToString(sum[:6]) + ".cloak"
}

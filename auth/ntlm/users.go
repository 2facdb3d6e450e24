package ntlm

import (
	"encoding/hex"
	"fmt"
	"strings"

	"golang.org/x/crypto/md4"
)

// UserStore resolves account secrets for NTLM verification.
type UserStore interface {
	// NTHash returns the NT one-way hash (MD4 of the UTF-16LE password) of
	// user in domain, or false if the account is unknown.
	NTHash(user, domain string) ([]byte, bool)
}

// StaticUsers is an in-memory UserStore. Keys are upper-case "USER" or
// "DOMAIN\USER"; a domain-qualified entry wins over a bare one.
type StaticUsers map[string][]byte

// NewStaticUsers builds a store from user -> password pairs. Users may be
// given as "user" or "DOMAIN\user".
func NewStaticUsers(passwords map[string]string) StaticUsers {
	s := make(StaticUsers, len(passwords))
	for u, p := range passwords {
		s.AddPassword(u, p)
	}
	return s
}

// AddPassword stores the NT hash of password for user.
func (s StaticUsers) AddPassword(user, password string) {
	s[strings.ToUpper(user)] = NTHash(password)
}

// AddHash stores a hex-encoded NT hash for user. An "LM:NT" pair is accepted.
func (s StaticUsers) AddHash(user, hash string) error {
	if i := strings.IndexByte(hash, ':'); i >= 0 {
		hash = hash[i+1:]
	}
	b, err := hex.DecodeString(hash)
	if err != nil {
		return fmt.Errorf("decode NT hash for %s: %w", user, err)
	}
	if len(b) != md4.Size {
		return fmt.Errorf("NT hash for %s: want %d bytes, got %d", user, md4.Size, len(b))
	}
	s[strings.ToUpper(user)] = b
	return nil
}

// NTHash implements UserStore.
func (s StaticUsers) NTHash(user, domain string) ([]byte, bool) {
	user = strings.ToUpper(user)
	if domain != "" {
		if h, ok := s[strings.ToUpper(domain)+`\`+user]; ok {
			return h, true
		}
	}
	h, ok := s[user]
	return h, ok
}

// NTHash computes the NT one-way hash of password.
func NTHash(password string) []byte {
	h := md4.New()
	h.Write(encodeUTF16(password))
	return h.Sum(nil)
}

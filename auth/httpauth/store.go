package httpauth

import (
	"context"
	"net"
	"sync"
	"time"

	"github.com/smnsjas/go-negotiate/auth"
)

type connKeyType struct{}

var connKey connKeyType

// withConn records the connection in ctx; see Authenticator.ConnContext.
func withConn(ctx context.Context, c net.Conn) context.Context {
	return context.WithValue(ctx, connKey, c)
}

// storeKey identifies the connection a request arrived on. Without the
// ConnContext hook the remote address stands in for the connection.
func storeKey(ctx context.Context, remoteAddr string) any {
	if c, ok := ctx.Value(connKey).(net.Conn); ok {
		return c
	}
	return remoteAddr
}

type pending struct {
	sc       *auth.ServerContext
	scheme   string
	remote   string
	lastUsed time.Time
}

// contextStore holds in-progress handshakes per connection.
type contextStore struct {
	mu      sync.Mutex
	entries map[any]*pending
	ttl     time.Duration
	clock   Clock

	lastSweep time.Time
}

func newContextStore(ttl time.Duration, clock Clock) *contextStore {
	return &contextStore{
		entries:   make(map[any]*pending),
		ttl:       ttl,
		clock:     clock,
		lastSweep: clock.Now(),
	}
}

// take removes and returns the pending handshake for key. Expired entries
// are closed and reported as absent.
func (s *contextStore) take(key any) (*pending, bool) {
	s.mu.Lock()
	p, ok := s.entries[key]
	if ok {
		delete(s.entries, key)
	}
	s.mu.Unlock()
	if !ok {
		return nil, false
	}
	if s.clock.Now().Sub(p.lastUsed) > s.ttl {
		_ = p.sc.Close()
		return nil, false
	}
	return p, true
}

// put parks a handshake until the client's next leg. Any handshake already
// parked under key is closed.
func (s *contextStore) put(key any, p *pending) {
	p.lastUsed = s.clock.Now()
	s.mu.Lock()
	old := s.entries[key]
	s.entries[key] = p
	s.mu.Unlock()
	if old != nil && old != p {
		_ = old.sc.Close()
	}
	s.maybeSweep()
}

// drop closes the handshake parked under key, if any.
func (s *contextStore) drop(key any) {
	s.mu.Lock()
	p, ok := s.entries[key]
	delete(s.entries, key)
	s.mu.Unlock()
	if ok {
		_ = p.sc.Close()
	}
}

func (s *contextStore) maybeSweep() {
	now := s.clock.Now()
	s.mu.Lock()
	if now.Sub(s.lastSweep) < s.ttl/2 {
		s.mu.Unlock()
		return
	}
	s.lastSweep = now
	s.mu.Unlock()
	s.sweep(now)
}

// sweep closes handshakes idle for longer than the TTL and returns how many
// were closed.
func (s *contextStore) sweep(now time.Time) int {
	var expired []*pending
	s.mu.Lock()
	for k, p := range s.entries {
		if now.Sub(p.lastUsed) > s.ttl {
			expired = append(expired, p)
			delete(s.entries, k)
		}
	}
	s.mu.Unlock()
	for _, p := range expired {
		_ = p.sc.Close()
	}
	return len(expired)
}

// closeAll closes every parked handshake.
func (s *contextStore) closeAll() {
	s.mu.Lock()
	entries := s.entries
	s.entries = make(map[any]*pending)
	s.mu.Unlock()
	for _, p := range entries {
		_ = p.sc.Close()
	}
}

func (s *contextStore) len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.entries)
}

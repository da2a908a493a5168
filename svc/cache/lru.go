package cache

import (
	"context"
	"errors"
	"sync"
	"time"

	"legalvault/svc/util"
	"legalvault/svc/vault"

	lru "github.com/hashicorp/golang-lru/v2"
)

// Sessions maps session ids to unlocked vaults. An entry idle for longer
// than the TTL is dropped, and any entry leaving the cache has its vault
// locked.
type Sessions struct {
	c   *lru.Cache[string, *entry]
	ttl time.Duration
	mu  sync.Mutex
	now func() time.Time
}
type entry struct {
	userID string
	handle vault.Handle
	exp    time.Time
}

// Entry is a snapshot of a live session.
type Entry struct {
	UserID string
	Handle vault.Handle
}

func NewSessions(size int, idleTTL time.Duration) (*Sessions, error) {
	if size <= 0 {
		return nil, errors.New("cache size must be positive")
	}
	if size > 100000 {
		return nil, errors.New("cache size too large")
	}
	if idleTTL <= 0 {
		return nil, errors.New("idle ttl must be positive")
	}
	s := &Sessions{ttl: idleTTL, now: time.Now}
	c, err := lru.NewWithEvict[string, *entry](size, func(id string, e *entry) {
		if sess := e.handle.Session(); sess != nil {
			sess.Lock()
		}
		util.Debug().Str("session", util.RedactToken(id)).Msg("Vault session evicted")
	})
	if err != nil {
		return nil, err
	}
	s.c = c
	return s, nil
}

// Get returns the entry and pushes its expiry forward.
func (s *Sessions) Get(ctx context.Context, id string) (Entry, bool) {
	select {
	case <-ctx.Done():
		return Entry{}, false
	default:
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.c.Get(id)
	if !ok {
		return Entry{}, false
	}
	now := s.now()
	if now.After(e.exp) {
		s.c.Remove(id)
		return Entry{}, false
	}
	e.exp = now.Add(s.ttl)
	return Entry{UserID: e.userID, Handle: e.handle}, true
}

// Put registers a session. Re-putting an id swaps its handle without
// locking the vault.
func (s *Sessions) Put(ctx context.Context, id, userID string, h vault.Handle) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.c.Add(id, &entry{
		userID: userID,
		handle: h,
		exp:    s.now().Add(s.ttl),
	})
}
func (s *Sessions) Delete(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.c.Remove(id)
}
func (s *Sessions) Len() int {
	return s.c.Len()
}

// Sweep drops every expired entry and returns how many went.
func (s *Sessions) Sweep() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := s.now()
	n := 0
	for _, id := range s.c.Keys() {
		if e, ok := s.c.Peek(id); ok && now.After(e.exp) {
			s.c.Remove(id)
			n++
		}
	}
	return n
}
func (s *Sessions) RunJanitor(interval time.Duration, quit <-chan struct{}) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			if n := s.Sweep(); n > 0 {
				util.Info().Int("expired", n).Msg("Idle vault sessions locked")
			}
		case <-quit:
			return
		}
	}
}

// Purge locks and drops every session.
func (s *Sessions) Purge() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.c.Purge()
}

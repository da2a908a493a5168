package vault

import (
	"context"
	"sync"
	"sync/atomic"

	"legalvault/pkg/domain"
	"legalvault/svc/db"
	"legalvault/svc/util"

	"golang.org/x/sync/errgroup"
)

type State int32

const (
	Locked State = iota
	Unlocking
	Unlocked
)

func (s State) String() string {
	switch s {
	case Locked:
		return "locked"
	case Unlocking:
		return "unlocking"
	case Unlocked:
		return "unlocked"
	}
	return "unknown"
}

// Session is one caller-owned vault. Operations are serialized, so a
// read-modify-write of a namespace key never interleaves with another.
type Session struct {
	engine *Engine
	mu     sync.Mutex
	state  atomic.Int32
	gen    atomic.Uint64
}

// Handle pins a session to the generation it was obtained in. Once the
// session is locked or re-keyed every call through the handle fails with
// ErrVaultNotInitialized.
type Handle struct {
	s   *Session
	gen uint64
}

func NewSession(store db.Store, opts Options) *Session {
	return &Session{engine: NewEngine(store, opts)}
}

// Open returns an unlocked session for userID.
func Open(ctx context.Context, store db.Store, userID, passphrase string, opts Options) (*Session, error) {
	s := NewSession(store, opts)
	if err := s.Unlock(ctx, userID, passphrase); err != nil {
		return nil, err
	}
	return s, nil
}

// Unlock drops any resident key and derives a new one. Operations issued
// while the key is being derived fail rather than wait.
func (s *Session) Unlock(ctx context.Context, userID, passphrase string) error {
	s.mu.Lock()
	s.engine.Clear()
	s.state.Store(int32(Unlocking))
	gen := s.gen.Add(1)
	s.mu.Unlock()

	key, err := s.engine.derive(ctx, userID, passphrase)

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.gen.Load() != gen {
		// locked or re-keyed while deriving
		if err == nil {
			util.Wipe(key)
		}
		return domain.ErrVaultNotInitialized
	}
	if err == nil {
		err = s.engine.install(userID, key)
	}
	if err != nil {
		s.state.Store(int32(Locked))
		s.gen.Add(1)
		return err
	}
	s.state.Store(int32(Unlocked))
	s.gen.Add(1)
	return nil
}

// Lock zeroes the key. Idempotent.
func (s *Session) Lock() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.engine.Clear()
	s.state.Store(int32(Locked))
	s.gen.Add(1)
}
// Rekey re-seals history and drafts under a key derived from passphrase and
// then runs commit, all without releasing the session. Both blobs are written
// before commit. When a write or commit fails the previous ciphertext is put
// back and the session keeps its current key.
func (s *Session) Rekey(ctx context.Context, passphrase string, commit func() error) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.State() != Unlocked {
		return domain.ErrVaultNotInitialized
	}
	userID := s.engine.UserID()
	docs, err := s.loadHistory(ctx, userID)
	if err != nil {
		return err
	}
	drafts, err := s.loadDrafts(ctx, userID)
	if err != nil {
		return err
	}
	keys := []string{HistoryKey(userID), DraftsKey(userID)}
	prev, err := s.engine.snapshot(ctx, keys...)
	if err != nil {
		return err
	}
	key, err := s.engine.derive(ctx, userID, passphrase)
	if err != nil {
		return err
	}
	next := NewEngine(s.engine.store, Options{Iterations: s.engine.iterations})
	if err := next.install(userID, append([]byte(nil), key...)); err != nil {
		util.Wipe(key)
		return err
	}
	defer next.Clear()

	payloads := []interface{}{docs, drafts}
	written := 0
	for i, k := range keys {
		if err = next.EncryptAndStore(ctx, k, payloads[i]); err != nil {
			break
		}
		written++
	}
	if err == nil && commit != nil {
		err = commit()
	}
	if err != nil {
		util.Wipe(key)
		if rerr := s.engine.restore(context.WithoutCancel(ctx), prev[:written]); rerr != nil {
			util.Error().Err(rerr).Str("user_id", userID).Msg("Vault rollback failed")
		}
		return err
	}
	if err := s.engine.install(userID, key); err != nil {
		s.state.Store(int32(Locked))
		s.gen.Add(1)
		return err
	}
	s.gen.Add(1)
	return nil
}

func (s *Session) State() State       { return State(s.state.Load()) }
func (s *Session) Generation() uint64 { return s.gen.Load() }
func (s *Session) UserID() string     { return s.engine.UserID() }
func (s *Session) Handle() Handle     { return Handle{s: s, gen: s.gen.Load()} }
func (h Handle) Session() *Session    { return h.s }
func (h Handle) Generation() uint64   { return h.gen }

func (h Handle) Valid() bool {
	return h.s != nil && h.s.gen.Load() == h.gen && h.s.State() == Unlocked
}

// with runs fn holding the session lock, after checking the session is
// unlocked and, for handles, still on the pinned generation.
func (s *Session) with(gen uint64, pinned bool, fn func(userID string) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.State() != Unlocked || (pinned && s.gen.Load() != gen) {
		return domain.ErrVaultNotInitialized
	}
	return fn(s.engine.UserID())
}

func (s *Session) saveHistory(ctx context.Context, userID string, docs []domain.Document) error {
	if docs == nil {
		docs = []domain.Document{}
	}
	return s.engine.EncryptAndStore(ctx, HistoryKey(userID), docs)
}
func (s *Session) loadHistory(ctx context.Context, userID string) ([]domain.Document, error) {
	var docs []domain.Document
	if _, err := s.engine.DecryptAndLoad(ctx, HistoryKey(userID), &docs); err != nil {
		return nil, err
	}
	if docs == nil {
		docs = []domain.Document{}
	}
	return docs, nil
}
func (s *Session) saveDrafts(ctx context.Context, userID string, drafts []domain.Draft) error {
	if drafts == nil {
		drafts = []domain.Draft{}
	}
	return s.engine.EncryptAndStore(ctx, DraftsKey(userID), drafts)
}
func (s *Session) loadDrafts(ctx context.Context, userID string) ([]domain.Draft, error) {
	var drafts []domain.Draft
	if _, err := s.engine.DecryptAndLoad(ctx, DraftsKey(userID), &drafts); err != nil {
		return nil, err
	}
	if drafts == nil {
		drafts = []domain.Draft{}
	}
	return drafts, nil
}

func (s *Session) SaveHistory(ctx context.Context, docs []domain.Document) error {
	return s.Handle().saveHistory(ctx, docs, false)
}
func (s *Session) LoadHistory(ctx context.Context) ([]domain.Document, error) {
	return s.Handle().loadHistory(ctx, false)
}
func (s *Session) SaveDrafts(ctx context.Context, drafts []domain.Draft) error {
	return s.Handle().saveDrafts(ctx, drafts, false)
}
func (s *Session) LoadDrafts(ctx context.Context) ([]domain.Draft, error) {
	return s.Handle().loadDrafts(ctx, false)
}

func (h Handle) SaveHistory(ctx context.Context, docs []domain.Document) error {
	return h.saveHistory(ctx, docs, true)
}
func (h Handle) LoadHistory(ctx context.Context) ([]domain.Document, error) {
	return h.loadHistory(ctx, true)
}
func (h Handle) SaveDrafts(ctx context.Context, drafts []domain.Draft) error {
	return h.saveDrafts(ctx, drafts, true)
}
func (h Handle) LoadDrafts(ctx context.Context) ([]domain.Draft, error) {
	return h.loadDrafts(ctx, true)
}

func (h Handle) saveHistory(ctx context.Context, docs []domain.Document, pinned bool) error {
	if h.s == nil {
		return domain.ErrVaultNotInitialized
	}
	return h.s.with(h.gen, pinned, func(userID string) error {
		return h.s.saveHistory(ctx, userID, docs)
	})
}
func (h Handle) loadHistory(ctx context.Context, pinned bool) ([]domain.Document, error) {
	if h.s == nil {
		return nil, domain.ErrVaultNotInitialized
	}
	var docs []domain.Document
	err := h.s.with(h.gen, pinned, func(userID string) error {
		var err error
		docs, err = h.s.loadHistory(ctx, userID)
		return err
	})
	return docs, err
}
func (h Handle) saveDrafts(ctx context.Context, drafts []domain.Draft, pinned bool) error {
	if h.s == nil {
		return domain.ErrVaultNotInitialized
	}
	return h.s.with(h.gen, pinned, func(userID string) error {
		return h.s.saveDrafts(ctx, userID, drafts)
	})
}
func (h Handle) loadDrafts(ctx context.Context, pinned bool) ([]domain.Draft, error) {
	if h.s == nil {
		return nil, domain.ErrVaultNotInitialized
	}
	var drafts []domain.Draft
	err := h.s.with(h.gen, pinned, func(userID string) error {
		var err error
		drafts, err = h.s.loadDrafts(ctx, userID)
		return err
	})
	return drafts, err
}

// UpdateHistory loads the history, applies fn and saves the result without
// letting another operation on this session run in between.
func (h Handle) UpdateHistory(ctx context.Context, fn func([]domain.Document) ([]domain.Document, error)) ([]domain.Document, error) {
	if h.s == nil {
		return nil, domain.ErrVaultNotInitialized
	}
	var out []domain.Document
	err := h.s.with(h.gen, true, func(userID string) error {
		docs, err := h.s.loadHistory(ctx, userID)
		if err != nil {
			return err
		}
		if out, err = fn(docs); err != nil {
			return err
		}
		return h.s.saveHistory(ctx, userID, out)
	})
	return out, err
}
func (h Handle) UpdateDrafts(ctx context.Context, fn func([]domain.Draft) ([]domain.Draft, error)) ([]domain.Draft, error) {
	if h.s == nil {
		return nil, domain.ErrVaultNotInitialized
	}
	var out []domain.Draft
	err := h.s.with(h.gen, true, func(userID string) error {
		drafts, err := h.s.loadDrafts(ctx, userID)
		if err != nil {
			return err
		}
		if out, err = fn(drafts); err != nil {
			return err
		}
		return h.s.saveDrafts(ctx, userID, out)
	})
	return out, err
}

// LoadAll decrypts history and drafts concurrently.
func (h Handle) LoadAll(ctx context.Context) ([]domain.Document, []domain.Draft, error) {
	if h.s == nil {
		return nil, nil, domain.ErrVaultNotInitialized
	}
	var docs []domain.Document
	var drafts []domain.Draft
	err := h.s.with(h.gen, true, func(userID string) error {
		g, gctx := errgroup.WithContext(ctx)
		g.Go(func() error {
			var err error
			docs, err = h.s.loadHistory(gctx, userID)
			return err
		})
		g.Go(func() error {
			var err error
			drafts, err = h.s.loadDrafts(gctx, userID)
			return err
		})
		return g.Wait()
	})
	if err != nil {
		return nil, nil, err
	}
	return docs, drafts, nil
}

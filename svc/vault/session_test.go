package vault

import (
	"context"
	"errors"
	"fmt"
	"reflect"
	"sync"
	"testing"

	"legalvault/pkg/domain"
	"legalvault/svc/db"
)

func openSession(t *testing.T, store db.Store, userID, passphrase string) *Session {
	t.Helper()
	s, err := Open(context.Background(), store, userID, passphrase, Options{})
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	return s
}

func TestSession_EmptyCollections(t *testing.T) {
	s := openSession(t, db.NewMemory(), "u1", "pw")
	docs, err := s.LoadHistory(context.Background())
	if err != nil || docs == nil || len(docs) != 0 {
		t.Fatalf("LoadHistory = %#v, %v", docs, err)
	}
	drafts, err := s.LoadDrafts(context.Background())
	if err != nil || drafts == nil || len(drafts) != 0 {
		t.Fatalf("LoadDrafts = %#v, %v", drafts, err)
	}
}
func TestSession_CategoriesAreSeparate(t *testing.T) {
	ctx := context.Background()
	store := db.NewMemory()
	s := openSession(t, store, "u1", "pw")
	docs := []domain.Document{{ID: "d1", Name: "a.pdf", Tags: []string{}}}
	drafts := []domain.Draft{{ID: "r1", Title: "NDA", Type: domain.DraftNDA}}
	if err := s.SaveHistory(ctx, docs); err != nil {
		t.Fatal(err)
	}
	if err := s.SaveDrafts(ctx, drafts); err != nil {
		t.Fatal(err)
	}
	h, _, _ := store.Get(ctx, HistoryKey("u1"))
	d, _, _ := store.Get(ctx, DraftsKey("u1"))
	if h == d {
		t.Fatal("history and drafts share a blob")
	}
	gotDocs, gotDrafts, err := s.Handle().LoadAll(ctx)
	if err != nil {
		t.Fatalf("LoadAll failed: %v", err)
	}
	if !reflect.DeepEqual(gotDocs, docs) || !reflect.DeepEqual(gotDrafts, drafts) {
		t.Fatalf("LoadAll = %v, %v", gotDocs, gotDrafts)
	}
}
func TestSession_LockedOperationsFail(t *testing.T) {
	ctx := context.Background()
	s := openSession(t, db.NewMemory(), "u1", "pw")
	s.Lock()
	s.Lock()
	if s.State() != Locked {
		t.Fatalf("state = %v", s.State())
	}
	ops := map[string]func() error{
		"SaveHistory": func() error { return s.SaveHistory(ctx, nil) },
		"LoadHistory": func() error { _, err := s.LoadHistory(ctx); return err },
		"SaveDrafts":  func() error { return s.SaveDrafts(ctx, nil) },
		"LoadDrafts":  func() error { _, err := s.LoadDrafts(ctx); return err },
	}
	for name, op := range ops {
		if err := op(); !errors.Is(err, domain.ErrVaultNotInitialized) {
			t.Errorf("%s after Lock = %v", name, err)
		}
	}
}
func TestSession_AliceScenario(t *testing.T) {
	ctx := context.Background()
	store := db.NewMemory()
	s := openSession(t, store, "alice-id", "secret1")
	docs := []domain.Document{{ID: "d1", Name: "lease.pdf", Type: "application/pdf", Timestamp: 1, Tags: []string{"Lease"}}}
	if err := s.SaveHistory(ctx, docs); err != nil {
		t.Fatal(err)
	}
	got, err := s.LoadHistory(ctx)
	if err != nil || !reflect.DeepEqual(got, docs) {
		t.Fatalf("LoadHistory = %v, %v", got, err)
	}
	s.Lock()
	if _, err := s.LoadHistory(ctx); !errors.Is(err, domain.ErrVaultNotInitialized) {
		t.Fatalf("LoadHistory after logout = %v", err)
	}
}
func TestSession_StaleHandle(t *testing.T) {
	ctx := context.Background()
	store := db.NewMemory()
	s := openSession(t, store, "u1", "pw")
	h := s.Handle()
	if !h.Valid() {
		t.Fatal("fresh handle not valid")
	}
	if err := h.SaveHistory(ctx, nil); err != nil {
		t.Fatal(err)
	}
	before := s.Generation()
	if err := s.Unlock(ctx, "u1", "pw"); err != nil {
		t.Fatal(err)
	}
	if s.Generation() <= before {
		t.Fatal("generation did not advance")
	}
	if h.Valid() {
		t.Fatal("handle survived re-key")
	}
	if _, err := h.LoadHistory(ctx); !errors.Is(err, domain.ErrVaultNotInitialized) {
		t.Fatalf("stale handle LoadHistory = %v", err)
	}
	if _, err := s.Handle().LoadHistory(ctx); err != nil {
		t.Fatalf("fresh handle LoadHistory = %v", err)
	}
	var zero Handle
	if _, err := zero.LoadDrafts(ctx); !errors.Is(err, domain.ErrVaultNotInitialized) {
		t.Fatalf("zero handle = %v", err)
	}
}
func TestSession_RekeyCommits(t *testing.T) {
	ctx := context.Background()
	store := db.NewMemory()
	s := openSession(t, store, "u1", "old")
	docs := []domain.Document{{ID: "d1", Tags: []string{}}}
	if err := s.SaveHistory(ctx, docs); err != nil {
		t.Fatal(err)
	}
	h := s.Handle()
	committed := false
	if err := s.Rekey(ctx, "new", func() error { committed = true; return nil }); err != nil {
		t.Fatalf("Rekey = %v", err)
	}
	if !committed {
		t.Fatal("commit not called")
	}
	if h.Valid() {
		t.Fatal("handle survived re-key")
	}
	if got, err := s.LoadHistory(ctx); err != nil || !reflect.DeepEqual(got, docs) {
		t.Fatalf("LoadHistory after re-key = %v, %v", got, err)
	}
	reopened := openSession(t, store, "u1", "new")
	if _, _, err := reopened.Handle().LoadAll(ctx); err != nil {
		t.Fatalf("LoadAll with new passphrase = %v", err)
	}
	old := openSession(t, store, "u1", "old")
	if _, err := old.LoadHistory(ctx); !errors.Is(err, domain.ErrDecryptionFailed) {
		t.Fatalf("old passphrase after re-key = %v", err)
	}
}
func TestSession_RekeyCommitFailureRestoresBlobs(t *testing.T) {
	ctx := context.Background()
	store := db.NewMemory()
	s := openSession(t, store, "u1", "old")
	if err := s.SaveHistory(ctx, []domain.Document{{ID: "d1"}}); err != nil {
		t.Fatal(err)
	}
	historyBefore, _, _ := store.Get(ctx, HistoryKey("u1"))
	gen := s.Generation()
	boom := errors.New("commit failed")
	if err := s.Rekey(ctx, "new", func() error { return boom }); !errors.Is(err, boom) {
		t.Fatalf("Rekey = %v", err)
	}
	if got, _, _ := store.Get(ctx, HistoryKey("u1")); got != historyBefore {
		t.Fatal("history blob not restored")
	}
	if _, found, _ := store.Get(ctx, DraftsKey("u1")); found {
		t.Fatal("drafts blob left behind by failed re-key")
	}
	if s.Generation() != gen || s.State() != Unlocked {
		t.Fatalf("session changed: gen %d -> %d, state %v", gen, s.Generation(), s.State())
	}
	if _, err := s.LoadHistory(ctx); err != nil {
		t.Fatalf("LoadHistory with old key = %v", err)
	}
}
func TestSession_RekeyRequiresUnlocked(t *testing.T) {
	s := openSession(t, db.NewMemory(), "u1", "pw")
	s.Lock()
	called := false
	err := s.Rekey(context.Background(), "new", func() error { called = true; return nil })
	if !errors.Is(err, domain.ErrVaultNotInitialized) || called {
		t.Fatalf("Rekey on locked session = %v, commit called %v", err, called)
	}
}
func TestSession_UnlockWithDifferentPassphrase(t *testing.T) {
	ctx := context.Background()
	store := db.NewMemory()
	s := openSession(t, store, "u1", "first")
	_ = s.SaveDrafts(ctx, []domain.Draft{{ID: "r1"}})
	if err := s.Unlock(ctx, "u1", "second"); err != nil {
		t.Fatal(err)
	}
	if s.State() != Unlocked {
		t.Fatalf("state = %v", s.State())
	}
	if _, err := s.LoadDrafts(ctx); !errors.Is(err, domain.ErrDecryptionFailed) {
		t.Fatalf("LoadDrafts under other key = %v", err)
	}
}
func TestSession_FailedUnlockLeavesLocked(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	s := openSession(t, db.NewMemory(), "u1", "pw")
	cancel()
	if err := s.Unlock(ctx, "u1", "pw"); err == nil {
		t.Fatal("expected error")
	}
	if s.State() != Locked {
		t.Fatalf("state = %v", s.State())
	}
}
func TestSession_UpdateHistorySerializes(t *testing.T) {
	ctx := context.Background()
	s := openSession(t, db.NewMemory(), "u1", "pw")
	h := s.Handle()
	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, err := h.UpdateHistory(ctx, func(docs []domain.Document) ([]domain.Document, error) {
				return append(docs, domain.Document{ID: fmt.Sprint(i), Tags: []string{}}), nil
			})
			if err != nil {
				t.Error(err)
			}
		}(i)
	}
	wg.Wait()
	docs, err := h.LoadHistory(ctx)
	if err != nil || len(docs) != 10 {
		t.Fatalf("lost updates: %d docs, %v", len(docs), err)
	}
}
func TestSession_UpdateAbortsOnError(t *testing.T) {
	ctx := context.Background()
	s := openSession(t, db.NewMemory(), "u1", "pw")
	h := s.Handle()
	boom := errors.New("boom")
	_, err := h.UpdateDrafts(ctx, func([]domain.Draft) ([]domain.Draft, error) { return nil, boom })
	if !errors.Is(err, boom) {
		t.Fatalf("UpdateDrafts = %v", err)
	}
	drafts, _ := h.LoadDrafts(ctx)
	if len(drafts) != 0 {
		t.Fatal("failed update was persisted")
	}
}
func TestSession_IndependentSessions(t *testing.T) {
	ctx := context.Background()
	store := db.NewMemory()
	a := openSession(t, store, "ua", "pa")
	b := openSession(t, store, "ub", "pb")
	_ = a.SaveHistory(ctx, []domain.Document{{ID: "a", Tags: []string{}}})
	b.Lock()
	if docs, err := a.LoadHistory(ctx); err != nil || len(docs) != 1 {
		t.Fatalf("locking one session affected another: %v, %v", docs, err)
	}
}
func TestState_String(t *testing.T) {
	for st, want := range map[State]string{Locked: "locked", Unlocking: "unlocking", Unlocked: "unlocked", State(9): "unknown"} {
		if st.String() != want {
			t.Errorf("%d.String() = %q", st, st.String())
		}
	}
}

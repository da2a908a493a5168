package cache

import (
	"context"
	"testing"
	"time"

	"legalvault/svc/db"
	"legalvault/svc/vault"
)

func openVault(t *testing.T, userID string) *vault.Session {
	t.Helper()
	s, err := vault.Open(context.Background(), db.NewMemory(), userID, "pw", vault.Options{})
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	return s
}

func TestSessions_GetPut(t *testing.T) {
	c, err := NewSessions(10, time.Minute)
	if err != nil {
		t.Fatal(err)
	}
	v := openVault(t, "u1")
	c.Put(context.Background(), "s1", "u1", v.Handle())
	e, ok := c.Get(context.Background(), "s1")
	if !ok || e.UserID != "u1" || !e.Handle.Valid() {
		t.Fatalf("Get = %+v, %v", e, ok)
	}
	if _, ok := c.Get(context.Background(), "missing"); ok {
		t.Fatal("found missing id")
	}
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, ok := c.Get(ctx, "s1"); ok {
		t.Fatal("Get ignored canceled context")
	}
}
func TestSessions_EvictionLocksVault(t *testing.T) {
	c, err := NewSessions(1, time.Minute)
	if err != nil {
		t.Fatal(err)
	}
	first := openVault(t, "u1")
	second := openVault(t, "u2")
	c.Put(context.Background(), "s1", "u1", first.Handle())
	c.Put(context.Background(), "s2", "u2", second.Handle())
	if first.State() != vault.Locked {
		t.Fatal("evicted vault still unlocked")
	}
	if second.State() != vault.Unlocked {
		t.Fatal("resident vault locked")
	}
	c.Delete("s2")
	if second.State() != vault.Locked {
		t.Fatal("deleted vault still unlocked")
	}
}
func TestSessions_IdleExpiry(t *testing.T) {
	c, err := NewSessions(10, time.Minute)
	if err != nil {
		t.Fatal(err)
	}
	now := time.Now()
	c.now = func() time.Time { return now }
	v := openVault(t, "u1")
	idle := openVault(t, "u2")
	c.Put(context.Background(), "active", "u1", v.Handle())
	c.Put(context.Background(), "idle", "u2", idle.Handle())

	now = now.Add(50 * time.Second)
	if _, ok := c.Get(context.Background(), "active"); !ok {
		t.Fatal("active session expired early")
	}
	now = now.Add(50 * time.Second)
	if n := c.Sweep(); n != 1 {
		t.Fatalf("Sweep removed %d, want 1", n)
	}
	if idle.State() != vault.Locked {
		t.Fatal("expired vault still unlocked")
	}
	if _, ok := c.Get(context.Background(), "active"); !ok {
		t.Fatal("sliding expiry not applied")
	}
	now = now.Add(2 * time.Minute)
	if _, ok := c.Get(context.Background(), "active"); ok {
		t.Fatal("expired session returned")
	}
	if v.State() != vault.Locked {
		t.Fatal("vault not locked on lazy expiry")
	}
}
func TestSessions_RePutKeepsVault(t *testing.T) {
	c, _ := NewSessions(10, time.Minute)
	v := openVault(t, "u1")
	c.Put(context.Background(), "s1", "u1", v.Handle())
	c.Put(context.Background(), "s1", "u1", v.Handle())
	if v.State() != vault.Unlocked {
		t.Fatal("re-put locked the vault")
	}
	c.Purge()
	if v.State() != vault.Locked || c.Len() != 0 {
		t.Fatal("Purge did not lock")
	}
}
func TestNewSessions_Validation(t *testing.T) {
	if _, err := NewSessions(0, time.Minute); err == nil {
		t.Error("size 0 accepted")
	}
	if _, err := NewSessions(200000, time.Minute); err == nil {
		t.Error("oversized cache accepted")
	}
	if _, err := NewSessions(10, 0); err == nil {
		t.Error("zero ttl accepted")
	}
}

package util

import (
	"encoding/base64"
	"strings"
	"testing"
	"time"

	"github.com/pkg/errors"
)

var testSecret = []byte("0123456789ABCDEFGHIJKLMNOPQRSTUVWXYZ")

func newSealer(t *testing.T) *TokenSealer {
	t.Helper()
	s, err := NewTokenSealer(testSecret)
	if err != nil {
		t.Fatalf("NewTokenSealer failed: %v", err)
	}
	return s
}

func TestTokenSealer_RoundTrip(t *testing.T) {
	s := newSealer(t)
	exp := time.Now().Add(time.Hour).Truncate(time.Second)
	tok, err := s.Seal(SessionClaims{SessionID: "sess-1", UserID: "user-1", ExpiresAt: exp})
	if err != nil {
		t.Fatalf("Seal failed: %v", err)
	}
	if strings.ContainsAny(tok, "+/=") {
		t.Errorf("token should be url-safe, got %q", tok)
	}
	c, err := s.Open(tok)
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	if c.SessionID != "sess-1" || c.UserID != "user-1" {
		t.Errorf("claims mismatch: %+v", c)
	}
	if !c.ExpiresAt.Equal(exp) {
		t.Errorf("expiry = %v, want %v", c.ExpiresAt, exp)
	}
}

func TestTokenSealer_Expired(t *testing.T) {
	s := newSealer(t)
	tok, err := s.Seal(SessionClaims{SessionID: "s", UserID: "u", ExpiresAt: time.Now().Add(time.Minute)})
	if err != nil {
		t.Fatalf("Seal failed: %v", err)
	}
	s.now = func() time.Time { return time.Now().Add(2 * time.Minute) }
	if _, err := s.Open(tok); !errors.Is(err, ErrTokenExpired) {
		t.Errorf("expected ErrTokenExpired, got %v", err)
	}
}

func TestTokenSealer_Tampered(t *testing.T) {
	s := newSealer(t)
	tok, _ := s.Seal(SessionClaims{SessionID: "s", UserID: "u", ExpiresAt: time.Now().Add(time.Hour)})
	raw, _ := base64.RawURLEncoding.DecodeString(tok)
	raw[len(raw)-1] ^= 0xFF
	if _, err := s.Open(base64.RawURLEncoding.EncodeToString(raw)); !errors.Is(err, ErrTokenForged) {
		t.Errorf("expected ErrTokenForged, got %v", err)
	}
}

func TestTokenSealer_OtherKey(t *testing.T) {
	s := newSealer(t)
	tok, _ := s.Seal(SessionClaims{SessionID: "s", UserID: "u", ExpiresAt: time.Now().Add(time.Hour)})
	other, err := NewTokenSealer([]byte("ZYXWVUTSRQPONMLKJIHGFEDCBA9876543210"))
	if err != nil {
		t.Fatalf("NewTokenSealer failed: %v", err)
	}
	if _, err := other.Open(tok); !errors.Is(err, ErrTokenForged) {
		t.Errorf("expected ErrTokenForged, got %v", err)
	}
}

func TestTokenSealer_Malformed(t *testing.T) {
	s := newSealer(t)
	for _, tok := range []string{"", "not base64!!", "YWJj"} {
		if _, err := s.Open(tok); !errors.Is(err, ErrTokenMalformed) {
			t.Errorf("Open(%q) = %v, want ErrTokenMalformed", tok, err)
		}
	}
}

func TestNewTokenSealer_RejectsWeakKeys(t *testing.T) {
	if _, err := NewTokenSealer([]byte("short")); err == nil {
		t.Error("expected error for short key")
	}
	if _, err := NewTokenSealer([]byte(strings.Repeat("a", 64))); err == nil {
		t.Error("expected error for low-entropy key")
	}
}

func TestRedactEmail(t *testing.T) {
	got := RedactEmail("alice@example.com")
	if strings.Contains(got, "alice") {
		t.Errorf("local part leaked: %s", got)
	}
	if !strings.HasPrefix(got, "a***@example.com#") {
		t.Errorf("unexpected redaction: %s", got)
	}
	if RedactEmail("") != "" {
		t.Error("empty email should stay empty")
	}
	if !strings.HasPrefix(RedactEmail("no-at-sign"), "hash:") {
		t.Error("malformed address should be hashed")
	}
}

func TestRedactIP(t *testing.T) {
	if got := RedactIP("192.168.1.77:5555"); got != "192.168.1.0" {
		t.Errorf("RedactIP = %s", got)
	}
}

package vault

import (
	"context"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"errors"
	"reflect"
	"testing"

	"legalvault/pkg/domain"
	"legalvault/svc/db"

	"golang.org/x/crypto/pbkdf2"
)

type payload struct {
	Name  string            `json:"name"`
	Count int               `json:"count"`
	Tags  []string          `json:"tags"`
	Meta  map[string]string `json:"meta"`
}

func newEngine(t *testing.T, store db.Store, userID, passphrase string) *Engine {
	t.Helper()
	e := NewEngine(store, Options{})
	if err := e.Initialize(context.Background(), userID, passphrase); err != nil {
		t.Fatalf("Initialize failed: %v", err)
	}
	return e
}

func TestEngine_RoundTrip(t *testing.T) {
	ctx := context.Background()
	e := newEngine(t, db.NewMemory(), "u1", "passphrase")
	inputs := []interface{}{
		payload{Name: "lease", Count: 3, Tags: []string{"a", "b"}, Meta: map[string]string{"k": "v"}},
		[]domain.Document{{ID: "d1", Name: "nda.pdf", Type: "application/pdf", Timestamp: 1700000000000, Tags: []string{"NDA"}}},
		[]domain.Draft{{ID: "x", Title: "T", Type: domain.DraftLease, Content: "…ünïcode…", LastModified: 1}},
	}
	for i, in := range inputs {
		if err := e.EncryptAndStore(ctx, "k", in); err != nil {
			t.Fatalf("case %d: EncryptAndStore failed: %v", i, err)
		}
		out := reflect.New(reflect.TypeOf(in))
		found, err := e.DecryptAndLoad(ctx, "k", out.Interface())
		if err != nil || !found {
			t.Fatalf("case %d: DecryptAndLoad = %v, %v", i, found, err)
		}
		if !reflect.DeepEqual(out.Elem().Interface(), in) {
			t.Errorf("case %d: got %#v, want %#v", i, out.Elem().Interface(), in)
		}
	}
}
func TestEngine_MissingBlob(t *testing.T) {
	e := newEngine(t, db.NewMemory(), "u1", "pw")
	var v payload
	found, err := e.DecryptAndLoad(context.Background(), "absent", &v)
	if err != nil || found {
		t.Fatalf("DecryptAndLoad(absent) = %v, %v", found, err)
	}
}
func TestEngine_WrongPassphrase(t *testing.T) {
	ctx := context.Background()
	store := db.NewMemory()
	right := newEngine(t, store, "u1", "correct horse")
	if err := right.EncryptAndStore(ctx, HistoryKey("u1"), []string{"secret"}); err != nil {
		t.Fatal(err)
	}
	wrong := newEngine(t, store, "u1", "battery staple")
	var out []string
	found, err := wrong.DecryptAndLoad(ctx, HistoryKey("u1"), &out)
	if !errors.Is(err, domain.ErrDecryptionFailed) {
		t.Fatalf("DecryptAndLoad with wrong key = %v, %v", found, err)
	}
	if out != nil {
		t.Fatalf("partial plaintext leaked: %v", out)
	}
}
func TestEngine_FreshIVPerCall(t *testing.T) {
	ctx := context.Background()
	store := db.NewMemory()
	e := newEngine(t, store, "u1", "pw")
	read := func() domain.Blob {
		raw, _, _ := store.Get(ctx, "k")
		var b domain.Blob
		if err := json.Unmarshal([]byte(raw), &b); err != nil {
			t.Fatal(err)
		}
		return b
	}
	_ = e.EncryptAndStore(ctx, "k", "same")
	first := read()
	_ = e.EncryptAndStore(ctx, "k", "same")
	second := read()
	if first.IV == second.IV || first.Data == second.Data {
		t.Fatal("IV or ciphertext reused across calls")
	}
	iv, _ := base64.StdEncoding.DecodeString(first.IV)
	if len(iv) != 12 {
		t.Fatalf("iv length = %d", len(iv))
	}
}
func TestEngine_MalformedBlobs(t *testing.T) {
	ctx := context.Background()
	store := db.NewMemory()
	e := newEngine(t, store, "u1", "pw")
	_ = e.EncryptAndStore(ctx, "good", "x")
	raw, _, _ := store.Get(ctx, "good")
	var good domain.Blob
	_ = json.Unmarshal([]byte(raw), &good)
	short := base64.StdEncoding.EncodeToString([]byte("short"))
	tampered := []byte(good.Data)
	if tampered[0] == 'A' {
		tampered[0] = 'B'
	} else {
		tampered[0] = 'A'
	}
	cases := map[string]string{
		"not json":       "{{{",
		"bad iv base64":  `{"iv":"***","data":"` + good.Data + `"}`,
		"wrong iv size":  `{"iv":"` + short + `","data":"` + good.Data + `"}`,
		"bad data":       `{"iv":"` + good.IV + `","data":"***"}`,
		"tampered data":  `{"iv":"` + good.IV + `","data":"` + string(tampered) + `"}`,
		"empty envelope": `{}`,
	}
	for name, v := range cases {
		t.Run(name, func(t *testing.T) {
			_ = store.Set(ctx, "bad", v)
			var out string
			if _, err := e.DecryptAndLoad(ctx, "bad", &out); !errors.Is(err, domain.ErrDecryptionFailed) {
				t.Fatalf("got %v, want ErrDecryptionFailed", err)
			}
		})
	}
}
func TestEngine_TypeMismatchLeavesOutUntouched(t *testing.T) {
	ctx := context.Background()
	e := newEngine(t, db.NewMemory(), "u1", "pw")
	mixed := []map[string]interface{}{{"name": "first", "count": 1}, {"name": "second", "count": "many"}}
	if err := e.EncryptAndStore(ctx, "k", mixed); err != nil {
		t.Fatal(err)
	}
	out := []payload{{Name: "keep"}}
	if _, err := e.DecryptAndLoad(ctx, "k", &out); !errors.Is(err, domain.ErrDecryptionFailed) {
		t.Fatalf("got %v, want ErrDecryptionFailed", err)
	}
	if len(out) != 1 || out[0].Name != "keep" {
		t.Fatalf("out was modified: %+v", out)
	}
	var notPtr []payload
	if _, err := e.DecryptAndLoad(ctx, "k", notPtr); err == nil {
		t.Fatal("non-pointer target accepted")
	}
}
func TestEngine_NotInitialized(t *testing.T) {
	ctx := context.Background()
	e := NewEngine(db.NewMemory(), Options{})
	if err := e.EncryptAndStore(ctx, "k", 1); !errors.Is(err, domain.ErrVaultNotInitialized) {
		t.Fatalf("EncryptAndStore = %v", err)
	}
	var v int
	if _, err := e.DecryptAndLoad(ctx, "k", &v); !errors.Is(err, domain.ErrVaultNotInitialized) {
		t.Fatalf("DecryptAndLoad = %v", err)
	}
}
func TestEngine_ClearIdempotent(t *testing.T) {
	e := newEngine(t, db.NewMemory(), "u1", "pw")
	e.Clear()
	e.Clear()
	if e.Ready() || e.UserID() != "" {
		t.Fatal("key material survived Clear")
	}
	if err := e.EncryptAndStore(context.Background(), "k", 1); !errors.Is(err, domain.ErrVaultNotInitialized) {
		t.Fatalf("EncryptAndStore after Clear = %v", err)
	}
}
func TestEngine_PerUserSalt(t *testing.T) {
	ctx := context.Background()
	store := db.NewMemory()
	newEngine(t, store, "u1", "pw")
	newEngine(t, store, "u2", "pw")
	s1, ok1, _ := store.Get(ctx, SaltKey("u1"))
	s2, ok2, _ := store.Get(ctx, SaltKey("u2"))
	if !ok1 || !ok2 || s1 == s2 {
		t.Fatalf("salts not per-user: %q %q", s1, s2)
	}
	newEngine(t, store, "u1", "pw")
	again, _, _ := store.Get(ctx, SaltKey("u1"))
	if again != s1 {
		t.Fatal("salt rewritten on second initialize")
	}
}
func TestEngine_SameUserSamePassphraseReopens(t *testing.T) {
	ctx := context.Background()
	store := db.NewMemory()
	first := newEngine(t, store, "u1", "pw")
	_ = first.EncryptAndStore(ctx, "k", "hello")
	first.Clear()
	second := newEngine(t, store, "u1", "pw")
	var out string
	if _, err := second.DecryptAndLoad(ctx, "k", &out); err != nil || out != "hello" {
		t.Fatalf("reopen = %q, %v", out, err)
	}
}
func TestEngine_LegacySaltForExistingVault(t *testing.T) {
	ctx := context.Background()
	store := db.NewMemory()
	key := pbkdf2.Key([]byte("pw"), legacySalt, MinIterations, 32, sha256.New)
	legacy := &Engine{store: store, iterations: MinIterations}
	if err := legacy.install("u1", key); err != nil {
		t.Fatal(err)
	}
	if err := legacy.EncryptAndStore(ctx, HistoryKey("u1"), []domain.Document{{ID: "d1", Tags: []string{}}}); err != nil {
		t.Fatal(err)
	}
	e := newEngine(t, store, "u1", "pw")
	var docs []domain.Document
	if _, err := e.DecryptAndLoad(ctx, HistoryKey("u1"), &docs); err != nil || len(docs) != 1 {
		t.Fatalf("legacy vault = %v, %v", docs, err)
	}
	if _, found, _ := store.Get(ctx, SaltKey("u1")); found {
		t.Fatal("salt record written for legacy vault")
	}
}
func TestEngine_CanceledContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	e := NewEngine(db.NewMemory(), Options{})
	if err := e.Initialize(ctx, "u1", "pw"); !errors.Is(err, context.Canceled) {
		t.Fatalf("Initialize = %v", err)
	}
}
func TestOptions_IterationFloor(t *testing.T) {
	if got := (Options{Iterations: 10}).iterations(); got != MinIterations {
		t.Errorf("iterations = %d", got)
	}
	if got := (Options{Iterations: 200000}).iterations(); got != 200000 {
		t.Errorf("iterations = %d", got)
	}
}

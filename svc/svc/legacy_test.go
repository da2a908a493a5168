package svc

import (
	"context"
	"crypto/aes"
	"crypto/cipher"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"testing"

	"legalvault/svc/db"

	"golang.org/x/crypto/pbkdf2"
)

func sha256Hex(s string) string {
	sum := sha256.Sum256([]byte(s))
	return hex.EncodeToString(sum[:])
}

// sealLikeBrowser writes a blob the way the browser client did: PBKDF2 with
// the fixed salt, AES-GCM, base64 iv and data.
func sealLikeBrowser(t *testing.T, passphrase string, v interface{}) string {
	t.Helper()
	key := pbkdf2.Key([]byte(passphrase), []byte("govguide-v3-e2ee-salt-production"), 100000, 32, sha256.New)
	block, err := aes.NewCipher(key)
	if err != nil {
		t.Fatal(err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		t.Fatal(err)
	}
	plain, err := json.Marshal(v)
	if err != nil {
		t.Fatal(err)
	}
	iv := []byte("0123456789ab")
	raw, err := json.Marshal(map[string]string{
		"iv":   base64.StdEncoding.EncodeToString(iv),
		"data": base64.StdEncoding.EncodeToString(gcm.Seal(nil, iv, plain, nil)),
	})
	if err != nil {
		t.Fatal(err)
	}
	return string(raw)
}

func TestLibrary_OpensDataFromBrowserClient(t *testing.T) {
	ctx := context.Background()
	store := db.NewMemory()
	users := `[{"id":"k3j9x2a1b","email":"a@x.com","displayName":"Alice",` +
		`"passwordHash":"` + sha256Hex("secret1") + `","securityQuestion":"Pet?",` +
		`"securityAnswerHash":"` + sha256Hex("rex") + `"}]`
	seed := map[string]string{
		"govguide_identity_store":      users,
		"govguide_vault_v2_k3j9x2a1b":  sealLikeBrowser(t, "secret1", []map[string]interface{}{{"id": "d1", "name": "lease.pdf", "tags": []string{}}}),
		"govguide_drafts_v1_k3j9x2a1b": sealLikeBrowser(t, "secret1", []map[string]interface{}{{"id": "r1", "title": "NDA"}}),
	}
	for k, v := range seed {
		if err := store.Set(ctx, k, v); err != nil {
			t.Fatal(err)
		}
	}
	f := newFixtureWithStore(t, store, nil)

	a, err := f.lib.Login(ctx, "a@x.com", "secret1")
	if err != nil {
		t.Fatalf("Login = %v", err)
	}
	if !a.VaultUnlocked || a.User.ID != "k3j9x2a1b" {
		t.Fatalf("auth = %+v", a)
	}
	docs, err := f.lib.History(ctx, a.Token)
	if err != nil || len(docs) != 1 || docs[0].Name != "lease.pdf" {
		t.Fatalf("History = %v, %v", docs, err)
	}
	drafts, err := f.lib.Drafts(ctx, a.Token)
	if err != nil || len(drafts) != 1 || drafts[0].Title != "NDA" {
		t.Fatalf("Drafts = %v, %v", drafts, err)
	}
	if q, err := f.lib.SecurityQuestion(ctx, "a@x.com"); err != nil || q != "Pet?" {
		t.Fatalf("SecurityQuestion = %q, %v", q, err)
	}

	// the login upgraded the stored hash in place
	raw, _, _ := store.Get(ctx, "govguide_identity_store")
	var stored []map[string]string
	if err := json.Unmarshal([]byte(raw), &stored); err != nil || len(stored) != 1 {
		t.Fatalf("identity store = %s, %v", raw, err)
	}
	if stored[0]["passwordHash"] == sha256Hex("secret1") {
		t.Fatal("legacy password hash was not upgraded")
	}
}

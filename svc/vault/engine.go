package vault

import (
	"context"
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"reflect"
	"sync"

	"legalvault/pkg/domain"
	"legalvault/svc/db"
	"legalvault/svc/util"

	"github.com/pkg/errors"
	"golang.org/x/crypto/pbkdf2"
	"golang.org/x/sync/singleflight"
)

const (
	HistoryPrefix = "govguide_vault_v2_"
	DraftsPrefix  = "govguide_drafts_v1_"
	SaltPrefix    = "govguide_kdf_salt_"

	MinIterations = 100000
	keyLen        = 32
	ivLen         = 12
	saltLen       = 16
)

// Vaults written before per-user salts existed were derived with this salt.
var legacySalt = []byte("govguide-v3-e2ee-salt-production")

// concurrent first unlocks for one user must agree on a single salt
var saltFlight singleflight.Group

func HistoryKey(userID string) string { return HistoryPrefix + userID }
func DraftsKey(userID string) string  { return DraftsPrefix + userID }
func SaltKey(userID string) string    { return SaltPrefix + userID }

type Options struct {
	// Iterations of PBKDF2-HMAC-SHA256; values below MinIterations are raised.
	Iterations int
}

func (o Options) iterations() int {
	if o.Iterations < MinIterations {
		return MinIterations
	}
	return o.Iterations
}

// Engine derives a vault key from a passphrase and seals JSON payloads with
// AES-256-GCM. The key exists only in memory and only between Initialize and
// Clear.
type Engine struct {
	store      db.Store
	iterations int

	mu     sync.RWMutex
	key    []byte
	aead   cipher.AEAD
	userID string
}

func NewEngine(store db.Store, opts Options) *Engine {
	return &Engine{store: store, iterations: opts.iterations()}
}

// Initialize binds the engine to userID with a key derived from passphrase.
// A wrong passphrase is not detected here; it shows up as DecryptionFailed.
func (e *Engine) Initialize(ctx context.Context, userID, passphrase string) error {
	key, err := e.derive(ctx, userID, passphrase)
	if err != nil {
		return err
	}
	return e.install(userID, key)
}
func (e *Engine) derive(ctx context.Context, userID, passphrase string) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if userID == "" {
		return nil, domain.ErrInvalidRequest.WithMsg("user id is required")
	}
	salt, err := e.salt(ctx, userID)
	if err != nil {
		return nil, err
	}
	pass := []byte(passphrase)
	defer util.Wipe(pass)
	return pbkdf2.Key(pass, salt, e.iterations, keyLen, sha256.New), nil
}
func (e *Engine) install(userID string, key []byte) error {
	block, err := aes.NewCipher(key)
	if err != nil {
		util.Wipe(key)
		return errors.Wrap(err, "aes cipher")
	}
	aead, err := cipher.NewGCM(block)
	if err != nil {
		util.Wipe(key)
		return errors.Wrap(err, "gcm")
	}
	e.mu.Lock()
	util.Wipe(e.key)
	e.key, e.aead, e.userID = key, aead, userID
	e.mu.Unlock()
	return nil
}

// salt returns the user's KDF salt, creating it on first use. A user whose
// vault predates salt records keeps the legacy salt so old blobs still open.
func (e *Engine) salt(ctx context.Context, userID string) ([]byte, error) {
	v, err, _ := saltFlight.Do(fmt.Sprintf("%p/%s", e.store, userID), func() (interface{}, error) {
		raw, found, err := e.store.Get(ctx, SaltKey(userID))
		if err != nil {
			return nil, errors.Wrap(err, "read kdf salt")
		}
		if found {
			salt, err := base64.StdEncoding.DecodeString(raw)
			if err != nil || len(salt) == 0 {
				return nil, errors.New("kdf salt record is corrupt")
			}
			return salt, nil
		}
		legacy, err := e.hasLegacyBlobs(ctx, userID)
		if err != nil {
			return nil, err
		}
		if legacy {
			return legacySalt, nil
		}
		salt := make([]byte, saltLen)
		if _, err := rand.Read(salt); err != nil {
			return nil, errors.Wrap(err, "generate kdf salt")
		}
		if err := e.store.Set(ctx, SaltKey(userID), base64.StdEncoding.EncodeToString(salt)); err != nil {
			return nil, errors.Wrap(err, "write kdf salt")
		}
		return salt, nil
	})
	if err != nil {
		return nil, err
	}
	return v.([]byte), nil
}
func (e *Engine) hasLegacyBlobs(ctx context.Context, userID string) (bool, error) {
	for _, k := range []string{HistoryKey(userID), DraftsKey(userID)} {
		_, found, err := e.store.Get(ctx, k)
		if err != nil {
			return false, errors.Wrap(err, "probe vault")
		}
		if found {
			return true, nil
		}
	}
	return false, nil
}

func (e *Engine) EncryptAndStore(ctx context.Context, key string, payload interface{}) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	e.mu.RLock()
	aead := e.aead
	e.mu.RUnlock()
	if aead == nil {
		return domain.ErrVaultNotInitialized
	}
	plain, err := json.Marshal(payload)
	if err != nil {
		return errors.Wrap(err, "encode payload")
	}
	defer util.Wipe(plain)
	iv := make([]byte, ivLen)
	if _, err := rand.Read(iv); err != nil {
		return errors.Wrap(err, "generate iv")
	}
	blob := domain.Blob{
		IV:   base64.StdEncoding.EncodeToString(iv),
		Data: base64.StdEncoding.EncodeToString(aead.Seal(nil, iv, plain, nil)),
	}
	raw, err := json.Marshal(blob)
	if err != nil {
		return errors.Wrap(err, "encode blob")
	}
	if err := e.store.Set(ctx, key, string(raw)); err != nil {
		return errors.Wrap(err, "write blob")
	}
	return nil
}

// DecryptAndLoad decodes the blob under key into out. found is false when no
// blob exists. Plaintext that fails authentication never reaches out.
func (e *Engine) DecryptAndLoad(ctx context.Context, key string, out interface{}) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	e.mu.RLock()
	aead := e.aead
	e.mu.RUnlock()
	if aead == nil {
		return false, domain.ErrVaultNotInitialized
	}
	raw, found, err := e.store.Get(ctx, key)
	if err != nil {
		return false, errors.Wrap(err, "read blob")
	}
	if !found {
		return false, nil
	}
	var blob domain.Blob
	if err := json.Unmarshal([]byte(raw), &blob); err != nil {
		return true, domain.ErrDecryptionFailed
	}
	iv, err := base64.StdEncoding.DecodeString(blob.IV)
	if err != nil || len(iv) != ivLen {
		return true, domain.ErrDecryptionFailed
	}
	data, err := base64.StdEncoding.DecodeString(blob.Data)
	if err != nil {
		return true, domain.ErrDecryptionFailed
	}
	plain, err := aead.Open(nil, iv, data, nil)
	if err != nil {
		return true, domain.ErrDecryptionFailed
	}
	defer util.Wipe(plain)
	dst := reflect.ValueOf(out)
	if dst.Kind() != reflect.Ptr || dst.IsNil() {
		return true, errors.New("decode target must be a non-nil pointer")
	}
	fresh := reflect.New(dst.Elem().Type())
	if err := json.Unmarshal(plain, fresh.Interface()); err != nil {
		return true, domain.ErrDecryptionFailed
	}
	dst.Elem().Set(fresh.Elem())
	return true, nil
}

// storedBlob is the raw ciphertext under one key, kept so a failed re-key
// can put it back.
type storedBlob struct {
	key   string
	raw   string
	found bool
}

func (e *Engine) snapshot(ctx context.Context, keys ...string) ([]storedBlob, error) {
	out := make([]storedBlob, 0, len(keys))
	for _, k := range keys {
		raw, found, err := e.store.Get(ctx, k)
		if err != nil {
			return nil, errors.Wrap(err, "read blob")
		}
		out = append(out, storedBlob{key: k, raw: raw, found: found})
	}
	return out, nil
}
func (e *Engine) restore(ctx context.Context, blobs []storedBlob) error {
	var first error
	for _, b := range blobs {
		var err error
		if b.found {
			err = e.store.Set(ctx, b.key, b.raw)
		} else {
			err = e.store.Delete(ctx, b.key)
		}
		if err != nil && first == nil {
			first = errors.Wrapf(err, "restore %s", b.key)
		}
	}
	return first
}

// Clear zeroes and drops the key. Safe to call repeatedly.
func (e *Engine) Clear() {
	e.mu.Lock()
	defer e.mu.Unlock()
	util.Wipe(e.key)
	e.key, e.aead, e.userID = nil, nil, ""
}
func (e *Engine) UserID() string {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.userID
}
func (e *Engine) Ready() bool {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.aead != nil
}

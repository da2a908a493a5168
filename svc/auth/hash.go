package auth

import (
	"context"
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/base64"
	"encoding/hex"
	"fmt"
	"runtime"
	"strings"
	"sync"
	"time"

	"legalvault/svc/util"

	"github.com/pkg/errors"
	"golang.org/x/crypto/argon2"
)

const (
	maxPasswordLength = 1024
	hashTimeout       = 10 * time.Second
	legacyDigestLen   = sha256.Size * 2
)

var (
	ErrHasherStopped    = errors.New("hasher is shutting down")
	ErrHasherNotStarted = errors.New("hasher not started - call Start() first")
	ErrPasswordTooLong  = errors.New("password too long")
)

// HasherParams are the argon2id cost parameters. Memory is in KiB.
type HasherParams struct {
	Time        uint32
	Memory      uint32
	Parallelism uint8
	// VerifyFloor is the minimum wall time of Verify, so a miss on an
	// unknown account costs the same as a wrong password.
	VerifyFloor time.Duration
}

type Hasher struct {
	iterations  uint32
	memory      uint32
	parallelism uint8
	keyLength   uint32
	verifyFloor time.Duration
	pepper      []byte
	mu          sync.RWMutex
	jobQueue    chan hashJob
	quit        chan struct{}
	wg          sync.WaitGroup
	started     bool
	startMu     sync.Mutex
	stopOnce    sync.Once
}
type hashJob struct {
	password string
	resp     chan hashResult
}
type hashResult struct {
	hash string
	err  error
}

func NewHasher(p HasherParams, pepper []byte) (*Hasher, error) {
	if len(pepper) < 32 {
		return nil, errors.New("pepper must be at least 32 bytes")
	}
	if p.Time == 0 || p.Time > 100 {
		return nil, errors.New("iterations must be between 1 and 100")
	}
	if p.Memory < 1*1024 || p.Memory > 2*1024*1024 {
		return nil, errors.New("memory must be between 1024 and 2097152 KiB")
	}
	if p.Parallelism == 0 || p.Parallelism > 128 {
		return nil, errors.New("parallelism must be between 1 and 128")
	}
	pepperCopy := make([]byte, len(pepper))
	copy(pepperCopy, pepper)
	return &Hasher{
		iterations:  p.Time,
		memory:      p.Memory,
		parallelism: p.Parallelism,
		keyLength:   32,
		verifyFloor: p.VerifyFloor,
		pepper:      pepperCopy,
		jobQueue:    make(chan hashJob, 1024),
		quit:        make(chan struct{}),
	}, nil
}
func (h *Hasher) Start(workers int) error {
	h.startMu.Lock()
	defer h.startMu.Unlock()
	if h.started {
		return errors.New("hasher already started")
	}
	if workers <= 0 {
		workers = runtime.NumCPU()
	}
	h.wg.Add(workers)
	for i := 0; i < workers; i++ {
		go h.worker()
	}
	h.started = true
	return nil
}
func (h *Hasher) Stop() {
	h.stopOnce.Do(func() {
		close(h.quit)
		h.wg.Wait()
		h.mu.Lock()
		util.Wipe(h.pepper)
		h.pepper = nil
		h.mu.Unlock()
	})
}
func (h *Hasher) worker() {
	defer h.wg.Done()
	for {
		select {
		case job := <-h.jobQueue:
			hash, err := h.doHash(job.password)
			job.resp <- hashResult{hash: hash, err: err}
		case <-h.quit:
			return
		}
	}
}

// Hash returns an encoded argon2id hash with a fresh random salt.
func (h *Hasher) Hash(ctx context.Context, password string) (string, error) {
	h.startMu.Lock()
	started := h.started
	h.startMu.Unlock()
	if !started {
		return "", ErrHasherNotStarted
	}
	if len(password) > maxPasswordLength {
		return "", ErrPasswordTooLong
	}
	select {
	case <-h.quit:
		return "", ErrHasherStopped
	default:
	}
	respChan := make(chan hashResult, 1)
	ctx, cancel := context.WithTimeout(ctx, hashTimeout)
	defer cancel()
	select {
	case h.jobQueue <- hashJob{password: password, resp: respChan}:
	case <-ctx.Done():
		return "", errors.Wrap(ctx.Err(), "hash queue")
	case <-h.quit:
		return "", ErrHasherStopped
	}
	select {
	case res := <-respChan:
		return res.hash, res.err
	case <-ctx.Done():
		return "", errors.Wrap(ctx.Err(), "hash")
	case <-h.quit:
		return "", ErrHasherStopped
	}
}
func (h *Hasher) doHash(password string) (string, error) {
	peppered := h.applyPepper(password)
	if peppered == nil {
		return "", ErrHasherStopped
	}
	defer util.Wipe(peppered)
	salt := make([]byte, 16)
	if _, err := rand.Read(salt); err != nil {
		return "", err
	}
	hash := argon2.IDKey(peppered, salt, h.iterations, h.memory, h.parallelism, h.keyLength)
	defer util.Wipe(hash)
	b64Salt := base64.RawStdEncoding.EncodeToString(salt)
	b64Hash := base64.RawStdEncoding.EncodeToString(hash)
	return fmt.Sprintf("$argon2id$v=%d$m=%d,t=%d,p=%d$%s$%s",
		argon2.Version, h.memory, h.iterations, h.parallelism, b64Salt, b64Hash), nil
}

// Verify reports whether pwd matches encoded, and whether encoded should be
// replaced by a fresh Hash (legacy digest or outdated cost parameters).
// An empty or garbled encoded value never matches but costs a full hash.
func (h *Hasher) Verify(pwd, encoded string) (match bool, needsRehash bool, err error) {
	startTime := time.Now()
	defer func() {
		if elapsed := time.Since(startTime); elapsed < h.verifyFloor {
			time.Sleep(h.verifyFloor - elapsed)
		}
	}()
	if len(pwd) > maxPasswordLength {
		h.verifyArgon2(strings.Repeat("x", 64), "")
		return false, false, nil
	}
	if IsLegacyDigest(encoded) {
		ok := subtle.ConstantTimeCompare([]byte(LegacyDigest(pwd)), []byte(strings.ToLower(encoded))) == 1
		return ok, ok, nil
	}
	match, needsRehash = h.verifyArgon2(pwd, encoded)
	return match, needsRehash, nil
}
func (h *Hasher) verifyArgon2(pwd, encoded string) (bool, bool) {
	var mem, iters uint32 = h.memory, h.iterations
	var threads uint8 = h.parallelism
	var salt, hash []byte
	valid := true
	parts := strings.Split(encoded, "$")
	if len(parts) != 6 || parts[0] != "" || parts[1] != "argon2id" {
		valid = false
	} else if _, err := fmt.Sscanf(parts[3], "m=%d,t=%d,p=%d", &mem, &iters, &threads); err != nil {
		valid = false
		mem, iters, threads = h.memory, h.iterations, h.parallelism
	} else if mem < 1024 || mem > 2*1024*1024 || iters == 0 || iters > 1000 || threads == 0 || threads > 128 {
		valid = false
		mem, iters, threads = h.memory, h.iterations, h.parallelism
	} else {
		var err error
		salt, err = base64.RawStdEncoding.DecodeString(parts[4])
		if err != nil || len(salt) == 0 {
			valid = false
			salt = nil
		}
		hash, err = base64.RawStdEncoding.DecodeString(parts[5])
		if err != nil || len(hash) == 0 || len(hash) > 256 {
			valid = false
			hash = nil
		}
	}
	if salt == nil {
		salt = make([]byte, 16)
	}
	if hash == nil {
		hash = make([]byte, h.keyLength)
	}
	defer util.Wipe(hash)
	peppered := h.applyPepper(pwd)
	if peppered == nil {
		return false, false
	}
	defer util.Wipe(peppered)
	otherHash := argon2.IDKey(peppered, salt, iters, mem, threads, uint32(len(hash)))
	defer util.Wipe(otherHash)
	match := subtle.ConstantTimeCompare(hash, otherHash) == 1
	if !valid || !match {
		return false, false
	}
	return true, mem != h.memory || iters != h.iterations || threads != h.parallelism
}
func (h *Hasher) applyPepper(password string) []byte {
	h.mu.RLock()
	defer h.mu.RUnlock()
	if len(h.pepper) == 0 {
		return nil
	}
	mac := hmac.New(sha256.New, h.pepper)
	mac.Write([]byte(password))
	return mac.Sum(nil)
}

// LegacyDigest is the unsalted hex SHA-256 digest earlier releases stored.
// It is only produced for compatibility tests and migrations.
func LegacyDigest(s string) string {
	sum := sha256.Sum256([]byte(s))
	return hex.EncodeToString(sum[:])
}
func IsLegacyDigest(encoded string) bool {
	if len(encoded) != legacyDigestLen {
		return false
	}
	_, err := hex.DecodeString(encoded)
	return err == nil
}

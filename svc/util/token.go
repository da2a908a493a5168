package util

import (
	"crypto/cipher"
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/base64"
	"encoding/binary"
	"time"

	"github.com/pkg/errors"
	"golang.org/x/crypto/chacha20poly1305"
)

var (
	ErrTokenExpired   = errors.New("session token expired")
	ErrTokenForged    = errors.New("session token signature invalid")
	ErrTokenMalformed = errors.New("session token malformed")
)

const (
	macSize      = sha256.Size
	maxIDLength  = 255
	minSecretLen = 32
)

// SessionClaims is what a sealed session token carries. It names a server-side
// vault session; the vault key itself never leaves the process.
type SessionClaims struct {
	SessionID string
	UserID    string
	ExpiresAt time.Time
}

type TokenSealer struct {
	aead   cipher.AEAD
	macKey []byte
	now    func() time.Time
}

func NewTokenSealer(secret []byte) (*TokenSealer, error) {
	if err := validateKeyEntropy(secret); err != nil {
		return nil, err
	}
	sealKey := deriveSubkey(secret, "legalvault/token/seal")
	defer Wipe(sealKey)
	aead, err := chacha20poly1305.NewX(sealKey)
	if err != nil {
		return nil, errors.Wrap(err, "token cipher")
	}
	return &TokenSealer{
		aead:   aead,
		macKey: deriveSubkey(secret, "legalvault/token/mac"),
		now:    time.Now,
	}, nil
}

func validateKeyEntropy(secret []byte) error {
	if len(secret) < minSecretLen {
		return errors.New("session token key must be at least 32 bytes")
	}
	unique := make(map[byte]struct{})
	for _, b := range secret {
		unique[b] = struct{}{}
	}
	if len(unique) < 16 {
		return errors.New("session token key has insufficient entropy (too many repeating bytes)")
	}
	return nil
}

func deriveSubkey(secret []byte, label string) []byte {
	mac := hmac.New(sha256.New, secret)
	mac.Write([]byte(label))
	return mac.Sum(nil)
}

func (s *TokenSealer) Seal(c SessionClaims) (string, error) {
	if c.SessionID == "" || c.UserID == "" {
		return "", errors.New("session id and user id are required")
	}
	if len(c.SessionID) > maxIDLength || len(c.UserID) > maxIDLength {
		return "", errors.New("session id or user id too long")
	}
	body := make([]byte, 0, 10+len(c.SessionID)+len(c.UserID)+macSize)
	body = binary.BigEndian.AppendUint64(body, uint64(c.ExpiresAt.Unix()))
	body = append(body, byte(len(c.SessionID)))
	body = append(body, c.SessionID...)
	body = append(body, byte(len(c.UserID)))
	body = append(body, c.UserID...)
	body = append(body, s.sign(body)...)
	nonce := make([]byte, s.aead.NonceSize())
	if _, err := rand.Read(nonce); err != nil {
		return "", errors.Wrap(err, "token nonce")
	}
	sealed := s.aead.Seal(nonce, nonce, body, nil)
	return base64.RawURLEncoding.EncodeToString(sealed), nil
}

func (s *TokenSealer) Open(token string) (SessionClaims, error) {
	raw, err := base64.RawURLEncoding.DecodeString(token)
	if err != nil || len(raw) < s.aead.NonceSize()+s.aead.Overhead() {
		return SessionClaims{}, ErrTokenMalformed
	}
	nonce, ciphertext := raw[:s.aead.NonceSize()], raw[s.aead.NonceSize():]
	body, err := s.aead.Open(nil, nonce, ciphertext, nil)
	if err != nil {
		return SessionClaims{}, ErrTokenForged
	}
	if len(body) < 10+macSize {
		return SessionClaims{}, ErrTokenMalformed
	}
	signed, provided := body[:len(body)-macSize], body[len(body)-macSize:]
	if subtle.ConstantTimeCompare(provided, s.sign(signed)) != 1 {
		return SessionClaims{}, ErrTokenForged
	}
	expiry := int64(binary.BigEndian.Uint64(signed[:8]))
	rest := signed[8:]
	sessionID, rest, ok := readField(rest)
	if !ok {
		return SessionClaims{}, ErrTokenMalformed
	}
	userID, rest, ok := readField(rest)
	if !ok || len(rest) != 0 {
		return SessionClaims{}, ErrTokenMalformed
	}
	claims := SessionClaims{
		SessionID: sessionID,
		UserID:    userID,
		ExpiresAt: time.Unix(expiry, 0),
	}
	if s.now().After(claims.ExpiresAt) {
		return SessionClaims{}, ErrTokenExpired
	}
	return claims, nil
}

func (s *TokenSealer) sign(body []byte) []byte {
	mac := hmac.New(sha256.New, s.macKey)
	mac.Write(body)
	return mac.Sum(nil)
}

func readField(b []byte) (string, []byte, bool) {
	if len(b) < 1 {
		return "", nil, false
	}
	n := int(b[0])
	if n == 0 || len(b) < 1+n {
		return "", nil, false
	}
	return string(b[1 : 1+n]), b[1+n:], true
}

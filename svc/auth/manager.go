package auth

import (
	"context"
	"strings"
	"sync"

	"legalvault/pkg/domain"
	"legalvault/svc/creds"
	"legalvault/svc/util"

	"github.com/pkg/errors"
	"golang.org/x/text/unicode/norm"
)

const minPasswordUpdateLen = 6

type PasswordHasher interface {
	Hash(ctx context.Context, password string) (string, error)
	Verify(password, encoded string) (match bool, needsRehash bool, err error)
}

// Manager runs the identity flows over the credential store. Every flow is
// a read-modify-write of the whole collection, so writers are serialized.
type Manager struct {
	store  *creds.Store
	hasher PasswordHasher
	mu     sync.Mutex
}

func NewManager(store *creds.Store, hasher PasswordHasher) *Manager {
	return &Manager{store: store, hasher: hasher}
}

func normalizeAnswer(answer string) string {
	return strings.ToLower(strings.TrimSpace(answer))
}
func normalizeText(s string) string {
	return norm.NFC.String(s)
}
func indexByEmail(users []domain.User, email string) int {
	for i := range users {
		if users[i].Email == email {
			return i
		}
	}
	return -1
}
func indexByID(users []domain.User, id string) int {
	for i := range users {
		if users[i].ID == id {
			return i
		}
	}
	return -1
}

func (m *Manager) SignUp(ctx context.Context, email, displayName, password, question, answer string) (*domain.User, error) {
	if email == "" || password == "" {
		return nil, domain.ErrInvalidRequest.WithMsg("email and password are required")
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	users, err := m.store.List(ctx)
	if err != nil {
		return nil, err
	}
	if indexByEmail(users, email) >= 0 {
		return nil, domain.ErrDuplicateEmail
	}
	passwordHash, err := m.hasher.Hash(ctx, password)
	if err != nil {
		return nil, errors.Wrap(err, "hash password")
	}
	answerHash, err := m.hasher.Hash(ctx, normalizeAnswer(answer))
	if err != nil {
		return nil, errors.Wrap(err, "hash answer")
	}
	id := util.NewID()
	if indexByID(users, id) >= 0 {
		return nil, domain.ErrIDGenerationFailed
	}
	user := domain.User{
		ID:                 id,
		Email:              email,
		DisplayName:        normalizeText(displayName),
		PasswordHash:       passwordHash,
		SecurityQuestion:   normalizeText(question),
		SecurityAnswerHash: answerHash,
	}
	if err := m.store.Upsert(ctx, append(users, user)); err != nil {
		return nil, err
	}
	util.Info().Str("user_id", user.ID).Str("email", util.RedactEmail(email)).Msg("Account created")
	return &user, nil
}

// Login returns ErrInvalidCredentials for an unknown email and for a wrong
// password alike. Unknown emails still pay for one hash verification.
func (m *Manager) Login(ctx context.Context, email, password string) (*domain.User, error) {
	users, err := m.store.List(ctx)
	if err != nil {
		return nil, err
	}
	idx := indexByEmail(users, email)
	if idx < 0 {
		_, _, _ = m.hasher.Verify(password, "")
		return nil, domain.ErrInvalidCredentials
	}
	user := users[idx]
	match, needsRehash, err := m.hasher.Verify(password, user.PasswordHash)
	if err != nil {
		return nil, errors.Wrap(err, "verify password")
	}
	if !match {
		return nil, domain.ErrInvalidCredentials
	}
	if needsRehash {
		if upgraded, err := m.upgradeHash(ctx, user.ID, user.PasswordHash, password); err != nil {
			util.Warn().Err(err).Str("user_id", user.ID).Msg("Password hash upgrade failed")
		} else {
			user = upgraded
		}
	}
	return &user, nil
}
func (m *Manager) upgradeHash(ctx context.Context, userID, oldHash, password string) (domain.User, error) {
	newHash, err := m.hasher.Hash(ctx, password)
	if err != nil {
		return domain.User{}, errors.Wrap(err, "rehash password")
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	users, err := m.store.List(ctx)
	if err != nil {
		return domain.User{}, err
	}
	idx := indexByID(users, userID)
	if idx < 0 {
		return domain.User{}, domain.ErrUserNotFound
	}
	// a concurrent reset wins over the upgrade
	if users[idx].PasswordHash != oldHash {
		return users[idx], nil
	}
	users[idx].PasswordHash = newHash
	if err := m.store.Upsert(ctx, users); err != nil {
		return domain.User{}, err
	}
	util.Info().Str("user_id", userID).Msg("Password hash upgraded")
	return users[idx], nil
}

// FindUserByEmail returns nil, nil when no record has that email.
func (m *Manager) FindUserByEmail(ctx context.Context, email string) (*domain.User, error) {
	users, err := m.store.List(ctx)
	if err != nil {
		return nil, err
	}
	idx := indexByEmail(users, email)
	if idx < 0 {
		return nil, nil
	}
	user := users[idx]
	return &user, nil
}
func (m *Manager) SecurityQuestion(ctx context.Context, email string) (string, error) {
	user, err := m.FindUserByEmail(ctx, email)
	if err != nil {
		return "", err
	}
	if user == nil {
		return "", domain.ErrUserNotFound
	}
	return user.SecurityQuestion, nil
}

// Recover replaces the password hash after a correct security answer. The
// answer itself is left unchanged.
func (m *Manager) Recover(ctx context.Context, email, answer, newPassword string) error {
	if newPassword == "" {
		return domain.ErrInvalidRequest.WithMsg("new password is required")
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	users, err := m.store.List(ctx)
	if err != nil {
		return err
	}
	idx := indexByEmail(users, email)
	if idx < 0 {
		return domain.ErrUserNotFound
	}
	match, _, err := m.hasher.Verify(normalizeAnswer(answer), users[idx].SecurityAnswerHash)
	if err != nil {
		return errors.Wrap(err, "verify answer")
	}
	if !match {
		util.Warn().Str("email", util.RedactEmail(email)).Msg("Recovery answer mismatch")
		return domain.ErrWrongAnswer
	}
	passwordHash, err := m.hasher.Hash(ctx, newPassword)
	if err != nil {
		return errors.Wrap(err, "hash password")
	}
	users[idx].PasswordHash = passwordHash
	if err := m.store.Upsert(ctx, users); err != nil {
		return err
	}
	util.Info().Str("user_id", users[idx].ID).Msg("Password recovered")
	return nil
}

// UpdateUser applies the profile fields, then replaces the password hash when
// the trimmed new password has at least 6 characters and the answer hash when
// the trimmed new answer is non-empty.
func (m *Manager) UpdateUser(ctx context.Context, userID string, upd domain.ProfileUpdate, newPassword, newAnswer string) (*domain.User, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	users, err := m.store.List(ctx)
	if err != nil {
		return nil, err
	}
	idx := indexByID(users, userID)
	if idx < 0 {
		return nil, domain.ErrUserNotFound
	}
	for i := range users {
		if users[i].Email == upd.Email && users[i].ID != userID {
			return nil, domain.ErrEmailTaken
		}
	}
	updated := users[idx]
	updated.Email = upd.Email
	updated.DisplayName = normalizeText(upd.DisplayName)
	updated.SecurityQuestion = normalizeText(upd.SecurityQuestion)
	if len(strings.TrimSpace(newPassword)) >= minPasswordUpdateLen {
		if updated.PasswordHash, err = m.hasher.Hash(ctx, newPassword); err != nil {
			return nil, errors.Wrap(err, "hash password")
		}
	}
	if strings.TrimSpace(newAnswer) != "" {
		if updated.SecurityAnswerHash, err = m.hasher.Hash(ctx, normalizeAnswer(newAnswer)); err != nil {
			return nil, errors.Wrap(err, "hash answer")
		}
	}
	users[idx] = updated
	if err := m.store.Upsert(ctx, users); err != nil {
		return nil, err
	}
	util.Info().Str("user_id", userID).Msg("Profile updated")
	return &updated, nil
}

package svc

import (
	"context"
	"encoding/base64"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"legalvault/metrics"
	"legalvault/pkg/domain"
	"legalvault/svc/assist"
	"legalvault/svc/auth"
	"legalvault/svc/cache"
	"legalvault/svc/db"
	"legalvault/svc/util"
	"legalvault/svc/vault"

	"github.com/pkg/errors"
)

var ErrShuttingDown = errors.New("service shutting down")

type Options struct {
	Vault    vault.Options
	TokenTTL time.Duration
}

// Auth is what a successful sign-up, login or recovery hands back. A vault
// that could not be opened with the password stays locked until Unlock.
type Auth struct {
	Token         string            `json:"token"`
	ExpiresAt     time.Time         `json:"expiresAt"`
	User          domain.PublicUser `json:"user"`
	VaultUnlocked bool              `json:"vaultUnlocked"`
}

// Library ties identity to per-session vaults and keeps the document
// history and draft collections in the shape the front end expects.
type Library struct {
	auth     *auth.Manager
	store    db.Store
	sessions *cache.Sessions
	tokens   *util.TokenSealer
	analyzer assist.Analyzer
	opts     Options
	now      func() time.Time
	shutdown atomic.Bool
	opWg     sync.WaitGroup
}

func NewLibrary(m *auth.Manager, store db.Store, sessions *cache.Sessions, tokens *util.TokenSealer, analyzer assist.Analyzer, opts Options) *Library {
	if m == nil || store == nil || sessions == nil || tokens == nil {
		panic("library service: nil dependency (auth, store, sessions, or tokens)")
	}
	if opts.TokenTTL <= 0 {
		opts.TokenTTL = 12 * time.Hour
	}
	return &Library{
		auth:     m,
		store:    store,
		sessions: sessions,
		tokens:   tokens,
		analyzer: analyzer,
		opts:     opts,
		now:      time.Now,
	}
}
func (l *Library) begin() error {
	if l.shutdown.Load() {
		return ErrShuttingDown
	}
	l.opWg.Add(1)
	return nil
}

// Shutdown waits for in-flight calls, then locks every open vault.
func (l *Library) Shutdown() {
	l.shutdown.Store(true)
	l.opWg.Wait()
	l.sessions.Purge()
	metrics.SessionsActive.Set(0)
	util.Debug().Msg("library service shutdown complete")
}

func (l *Library) Register(ctx context.Context, email, displayName, password, question, answer string) (*Auth, error) {
	if err := l.begin(); err != nil {
		return nil, err
	}
	defer l.opWg.Done()
	user, err := l.auth.SignUp(ctx, email, displayName, password, question, answer)
	if err != nil {
		return nil, err
	}
	metrics.AccountsCreated.Inc()
	return l.openVault(ctx, user, password)
}
func (l *Library) Login(ctx context.Context, email, password string) (*Auth, error) {
	if err := l.begin(); err != nil {
		return nil, err
	}
	defer l.opWg.Done()
	user, err := l.auth.Login(ctx, email, password)
	if err != nil {
		if errors.Is(err, domain.ErrInvalidCredentials) {
			metrics.Logins.WithLabelValues("rejected").Inc()
			util.Warn().Str("email", util.RedactEmail(email)).Msg("Login rejected")
		}
		return nil, err
	}
	metrics.Logins.WithLabelValues("ok").Inc()
	return l.openVault(ctx, user, password)
}

// RecoverAndLogin resets the password and signs in with it. The vault keeps
// its old key, so it usually comes back locked.
func (l *Library) RecoverAndLogin(ctx context.Context, email, answer, newPassword string) (*Auth, error) {
	if err := l.begin(); err != nil {
		return nil, err
	}
	defer l.opWg.Done()
	if err := l.auth.Recover(ctx, email, answer, newPassword); err != nil {
		if errors.Is(err, domain.ErrWrongAnswer) {
			metrics.Recoveries.WithLabelValues("rejected").Inc()
		}
		return nil, err
	}
	metrics.Recoveries.WithLabelValues("ok").Inc()
	user, err := l.auth.Login(ctx, email, newPassword)
	if err != nil {
		return nil, err
	}
	return l.openVault(ctx, user, newPassword)
}
func (l *Library) SecurityQuestion(ctx context.Context, email string) (string, error) {
	if err := l.begin(); err != nil {
		return "", err
	}
	defer l.opWg.Done()
	return l.auth.SecurityQuestion(ctx, email)
}

func (l *Library) openVault(ctx context.Context, user *domain.User, passphrase string) (*Auth, error) {
	sess := vault.NewSession(l.store, l.opts.Vault)
	if err := sess.Unlock(ctx, user.ID, passphrase); err != nil {
		return nil, errors.Wrap(err, "unlock vault")
	}
	unlocked, err := l.probe(ctx, sess)
	if err != nil {
		sess.Lock()
		return nil, err
	}
	sid := util.NewID()
	exp := l.now().Add(l.opts.TokenTTL)
	token, err := l.tokens.Seal(util.SessionClaims{SessionID: sid, UserID: user.ID, ExpiresAt: exp})
	if err != nil {
		sess.Lock()
		return nil, errors.Wrap(err, "seal session token")
	}
	l.sessions.Put(ctx, sid, user.ID, sess.Handle())
	metrics.SessionsActive.Set(float64(l.sessions.Len()))
	util.Info().Str("user_id", user.ID).Bool("vault_unlocked", unlocked).Msg("Session opened")
	return &Auth{Token: token, ExpiresAt: exp, User: user.Public(), VaultUnlocked: unlocked}, nil
}

// probe reads both collections once. A vault sealed under another key is
// locked again and reported as such rather than failing the sign-in.
func (l *Library) probe(ctx context.Context, sess *vault.Session) (bool, error) {
	_, _, err := sess.Handle().LoadAll(ctx)
	metrics.VaultOps.WithLabelValues("decrypt").Add(2)
	if err == nil {
		return true, nil
	}
	if errors.Is(err, domain.ErrDecryptionFailed) {
		metrics.DecryptFailures.Inc()
		sess.Lock()
		return false, nil
	}
	return false, err
}

type session struct {
	id     string
	userID string
	handle vault.Handle
}

func (l *Library) resolve(ctx context.Context, token string) (session, error) {
	claims, err := l.tokens.Open(token)
	if err != nil {
		if errors.Is(err, util.ErrTokenExpired) {
			return session{}, domain.ErrSessionExpired
		}
		util.Warn().Err(err).Str("token", util.RedactToken(token)).Msg("Rejected session token")
		return session{}, domain.ErrUnauthorized
	}
	e, ok := l.sessions.Get(ctx, claims.SessionID)
	if !ok {
		return session{}, domain.ErrSessionExpired
	}
	if e.UserID != claims.UserID {
		return session{}, domain.ErrUnauthorized
	}
	return session{id: claims.SessionID, userID: e.UserID, handle: e.Handle}, nil
}

// Unlock re-keys the session's vault with passphrase. A key that cannot
// read the existing vault leaves it locked and fails with DecryptionFailed.
func (l *Library) Unlock(ctx context.Context, token, passphrase string) error {
	if err := l.begin(); err != nil {
		return err
	}
	defer l.opWg.Done()
	s, err := l.resolve(ctx, token)
	if err != nil {
		return err
	}
	sess := s.handle.Session()
	if err := sess.Unlock(ctx, s.userID, passphrase); err != nil {
		return err
	}
	unlocked, err := l.probe(ctx, sess)
	if err != nil {
		sess.Lock()
		return err
	}
	l.sessions.Put(ctx, s.id, s.userID, sess.Handle())
	if !unlocked {
		return domain.ErrDecryptionFailed.WithMsg("invalid decryption key")
	}
	util.Info().Str("user_id", s.userID).Msg("Vault unlocked")
	return nil
}

// Lock drops the vault key but keeps the session, so Unlock can follow.
func (l *Library) Lock(ctx context.Context, token string) error {
	if err := l.begin(); err != nil {
		return err
	}
	defer l.opWg.Done()
	s, err := l.resolve(ctx, token)
	if err != nil {
		return err
	}
	s.handle.Session().Lock()
	l.sessions.Put(ctx, s.id, s.userID, s.handle.Session().Handle())
	return nil
}
func (l *Library) Logout(ctx context.Context, token string) error {
	if err := l.begin(); err != nil {
		return err
	}
	defer l.opWg.Done()
	s, err := l.resolve(ctx, token)
	if err != nil {
		return err
	}
	l.sessions.Delete(s.id)
	metrics.SessionsActive.Set(float64(l.sessions.Len()))
	util.Info().Str("user_id", s.userID).Msg("Logged out")
	return nil
}

// UpdateProfile applies a profile change. When the password changes while
// the vault is open, the vault is re-sealed under the new password before the
// new hash is saved, so either both change or neither does.
func (l *Library) UpdateProfile(ctx context.Context, token string, upd domain.ProfileUpdate, newPassword, newAnswer string) (*domain.PublicUser, error) {
	if err := l.begin(); err != nil {
		return nil, err
	}
	defer l.opWg.Done()
	s, err := l.resolve(ctx, token)
	if err != nil {
		return nil, err
	}
	var user *domain.User
	update := func() error {
		var err error
		user, err = l.auth.UpdateUser(ctx, s.userID, upd, newPassword, newAnswer)
		return err
	}
	if len(strings.TrimSpace(newPassword)) >= 6 && s.handle.Valid() {
		err = l.rekey(ctx, s, newPassword, update)
		if errors.Is(err, domain.ErrVaultNotInitialized) {
			// locked in the meantime; the vault keeps its old key
			err = update()
		}
	} else {
		err = update()
	}
	if err != nil {
		return nil, err
	}
	pub := user.Public()
	return &pub, nil
}
func (l *Library) rekey(ctx context.Context, s session, passphrase string, commit func() error) error {
	sess := s.handle.Session()
	if err := sess.Rekey(ctx, passphrase, commit); err != nil {
		var derr *domain.Err
		if !errors.As(err, &derr) {
			util.Error().Err(err).Str("user_id", s.userID).Msg("Vault re-key failed")
		}
		return err
	}
	metrics.VaultOps.WithLabelValues("encrypt").Add(2)
	l.sessions.Put(ctx, s.id, s.userID, sess.Handle())
	util.Info().Str("user_id", s.userID).Msg("Vault re-keyed")
	return nil
}

// vaultHandle resolves token to a handle on an unlocked vault.
func (l *Library) vaultHandle(ctx context.Context, token string) (vault.Handle, error) {
	s, err := l.resolve(ctx, token)
	if err != nil {
		return vault.Handle{}, err
	}
	if !s.handle.Valid() {
		return vault.Handle{}, domain.ErrVaultNotInitialized
	}
	return s.handle, nil
}
func observe(op string, err error) error {
	metrics.VaultOps.WithLabelValues(op).Inc()
	if errors.Is(err, domain.ErrDecryptionFailed) {
		metrics.DecryptFailures.Inc()
	}
	return err
}

func (l *Library) History(ctx context.Context, token string) ([]domain.Document, error) {
	if err := l.begin(); err != nil {
		return nil, err
	}
	defer l.opWg.Done()
	h, err := l.vaultHandle(ctx, token)
	if err != nil {
		return nil, err
	}
	docs, err := h.LoadHistory(ctx)
	return docs, observe("decrypt", err)
}
func (l *Library) Drafts(ctx context.Context, token string) ([]domain.Draft, error) {
	if err := l.begin(); err != nil {
		return nil, err
	}
	defer l.opWg.Done()
	h, err := l.vaultHandle(ctx, token)
	if err != nil {
		return nil, err
	}
	drafts, err := h.LoadDrafts(ctx)
	return drafts, observe("decrypt", err)
}

// SaveHistory replaces the whole history, keeping the newest MaxHistory.
func (l *Library) SaveHistory(ctx context.Context, token string, docs []domain.Document) error {
	if err := l.begin(); err != nil {
		return err
	}
	defer l.opWg.Done()
	h, err := l.vaultHandle(ctx, token)
	if err != nil {
		return err
	}
	if len(docs) > domain.MaxHistory {
		docs = docs[:domain.MaxHistory]
	}
	for i := range docs {
		if err := validateDocument(&docs[i]); err != nil {
			return err
		}
	}
	return observe("encrypt", h.SaveHistory(ctx, docs))
}
func (l *Library) SaveDrafts(ctx context.Context, token string, drafts []domain.Draft) error {
	if err := l.begin(); err != nil {
		return err
	}
	defer l.opWg.Done()
	h, err := l.vaultHandle(ctx, token)
	if err != nil {
		return err
	}
	for i := range drafts {
		if err := validateDraft(&drafts[i]); err != nil {
			return err
		}
	}
	return observe("encrypt", h.SaveDrafts(ctx, drafts))
}

// AddDocument puts doc at the head of the history and trims it to
// MaxHistory entries.
func (l *Library) AddDocument(ctx context.Context, token string, doc domain.Document) (*domain.Document, error) {
	if err := l.begin(); err != nil {
		return nil, err
	}
	defer l.opWg.Done()
	h, err := l.vaultHandle(ctx, token)
	if err != nil {
		return nil, err
	}
	if doc.ID == "" {
		doc.ID = util.NewID()
	}
	if doc.Timestamp == 0 {
		doc.Timestamp = l.now().UnixMilli()
	}
	if err := validateDocument(&doc); err != nil {
		return nil, err
	}
	_, err = h.UpdateHistory(ctx, func(docs []domain.Document) ([]domain.Document, error) {
		out := make([]domain.Document, 0, len(docs)+1)
		out = append(out, doc)
		out = append(out, docs...)
		if len(out) > domain.MaxHistory {
			out = out[:domain.MaxHistory]
		}
		return out, nil
	})
	if err := observe("encrypt", err); err != nil {
		return nil, err
	}
	return &doc, nil
}

// ReplaceDocument swaps the entry with doc.ID in place.
func (l *Library) ReplaceDocument(ctx context.Context, token string, doc domain.Document) error {
	if err := l.begin(); err != nil {
		return err
	}
	defer l.opWg.Done()
	h, err := l.vaultHandle(ctx, token)
	if err != nil {
		return err
	}
	if err := validateDocument(&doc); err != nil {
		return err
	}
	_, err = h.UpdateHistory(ctx, func(docs []domain.Document) ([]domain.Document, error) {
		for i := range docs {
			if docs[i].ID == doc.ID {
				docs[i] = doc
				return docs, nil
			}
		}
		return nil, domain.ErrNotFound.WithMsg("document not found")
	})
	return observe("encrypt", err)
}

// SaveDraft replaces the draft with the same id, or prepends a new one.
func (l *Library) SaveDraft(ctx context.Context, token string, draft domain.Draft) (*domain.Draft, error) {
	if err := l.begin(); err != nil {
		return nil, err
	}
	defer l.opWg.Done()
	h, err := l.vaultHandle(ctx, token)
	if err != nil {
		return nil, err
	}
	if draft.ID == "" {
		draft.ID = util.NewID()
	}
	draft.LastModified = l.now().UnixMilli()
	if err := validateDraft(&draft); err != nil {
		return nil, err
	}
	_, err = h.UpdateDrafts(ctx, func(drafts []domain.Draft) ([]domain.Draft, error) {
		for i := range drafts {
			if drafts[i].ID == draft.ID {
				drafts[i] = draft
				return drafts, nil
			}
		}
		return append([]domain.Draft{draft}, drafts...), nil
	})
	if err := observe("encrypt", err); err != nil {
		return nil, err
	}
	return &draft, nil
}

// DeleteDraft removes the draft with id. Deleting an absent id is a no-op.
func (l *Library) DeleteDraft(ctx context.Context, token, id string) error {
	if err := l.begin(); err != nil {
		return err
	}
	defer l.opWg.Done()
	h, err := l.vaultHandle(ctx, token)
	if err != nil {
		return err
	}
	_, err = h.UpdateDrafts(ctx, func(drafts []domain.Draft) ([]domain.Draft, error) {
		out := drafts[:0]
		for _, d := range drafts {
			if d.ID != id {
				out = append(out, d)
			}
		}
		return out, nil
	})
	return observe("encrypt", err)
}

// AnalyzeAndSave sends the document to the analyzer and files the result at
// the head of the history. A document the analyzer refuses is not stored.
func (l *Library) AnalyzeAndSave(ctx context.Context, token, name, mimeType, language string, data []byte) (*domain.Document, error) {
	if err := l.begin(); err != nil {
		return nil, err
	}
	defer l.opWg.Done()
	if l.analyzer == nil {
		return nil, domain.ErrAnalyzerUnavailable
	}
	if _, err := l.vaultHandle(ctx, token); err != nil {
		return nil, err
	}
	if len(data) == 0 {
		return nil, domain.ErrInvalidRequest.WithMsg("document is empty")
	}
	res, err := l.analyzer.AnalyzeDocument(ctx, data, mimeType, language)
	if err != nil {
		return nil, errors.Wrap(err, "analyze document")
	}
	if !res.ValidDomain {
		metrics.DocumentsRejected.Inc()
		msg := res.DomainError
		if msg == "" {
			msg = "Document rejected."
		}
		return nil, domain.ErrDocumentRejected.WithMsg(msg)
	}
	tags := res.SuggestedTags
	if tags == nil {
		tags = []string{}
	}
	return l.AddDocument(ctx, token, domain.Document{
		ID:       util.NewID(),
		Name:     name,
		Type:     mimeType,
		Base64:   base64.StdEncoding.EncodeToString(data),
		Analysis: res.Analysis,
		Tags:     tags,
	})
}

func validateDocument(doc *domain.Document) error {
	if doc.ID == "" {
		return domain.ErrInvalidRequest.WithMsg("document id is required")
	}
	if doc.Tags == nil {
		doc.Tags = []string{}
	}
	return nil
}
func validateDraft(d *domain.Draft) error {
	if d.ID == "" {
		return domain.ErrInvalidRequest.WithMsg("draft id is required")
	}
	if d.Type == "" {
		d.Type = domain.DraftGeneral
	}
	if !d.Type.Valid() {
		return domain.ErrInvalidRequest.WithMsg("unknown draft type")
	}
	return nil
}

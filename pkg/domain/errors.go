package domain

import (
	"net/http"

	"github.com/pkg/errors"
)

var (
	ErrDuplicateEmail      = NewErr("DUPLICATE_EMAIL", "user already exists with this email", http.StatusConflict)
	ErrEmailTaken          = NewErr("EMAIL_TAKEN", "email is already in use by another account", http.StatusConflict)
	ErrInvalidCredentials  = NewErr("INVALID_CREDENTIALS", "invalid email or password", http.StatusUnauthorized)
	ErrUserNotFound        = NewErr("USER_NOT_FOUND", "user not found", http.StatusNotFound)
	ErrWrongAnswer         = NewErr("WRONG_ANSWER", "incorrect answer to the security question", http.StatusUnauthorized)
	ErrVaultNotInitialized = NewErr("VAULT_NOT_INITIALIZED", "vault not initialized", http.StatusConflict)
	ErrDecryptionFailed    = NewErr("DECRYPTION_FAILED", "vault decryption failed", http.StatusUnauthorized)
	ErrInvalidRequest      = NewErr("INVALID_REQUEST", "invalid request", http.StatusBadRequest)
	ErrUnauthorized        = NewErr("UNAUTHORIZED", "unauthorized", http.StatusUnauthorized)
	ErrSessionExpired      = NewErr("SESSION_EXPIRED", "session expired", http.StatusUnauthorized)
	ErrDocumentRejected    = NewErr("DOCUMENT_REJECTED", "document rejected", http.StatusUnprocessableEntity)
	ErrNotFound            = NewErr("NOT_FOUND", "not found", http.StatusNotFound)
	ErrRateLimitExceeded   = NewErr("RATE_LIMIT_EXCEEDED", "rate limit exceeded", http.StatusTooManyRequests)
	ErrAnalyzerUnavailable = NewErr("ANALYZER_UNAVAILABLE", "document analysis is not configured", http.StatusServiceUnavailable)
	ErrInternalServer      = NewErr("INTERNAL_ERROR", "internal error", http.StatusInternalServerError)
	ErrIDGenerationFailed  = NewErr("ID_GENERATION_FAILED", "id generation failed", http.StatusInternalServerError)
)

type Err struct {
	Code   string `json:"code"`
	Msg    string `json:"message"`
	Status int    `json:"-"`
}

func (e *Err) Error() string { return e.Msg }

func NewErr(code, msg string, status int) *Err {
	return &Err{Code: code, Msg: msg, Status: status}
}

// WithMsg returns a copy carrying a caller-facing message. The copy still
// matches the original under errors.Is.
func (e *Err) WithMsg(msg string) error {
	return &detailErr{base: e, msg: msg}
}

type detailErr struct {
	base *Err
	msg  string
}

func (d *detailErr) Error() string        { return d.msg }
func (d *detailErr) Is(target error) bool { return target == d.base }
func (d *detailErr) Unwrap() error        { return d.base }

type ErrResp struct {
	Error ErrDetail `json:"error"`
}
type ErrDetail struct {
	Code string                 `json:"code"`
	Msg  string                 `json:"message"`
	Meta map[string]interface{} `json:"meta,omitempty"`
}

func ToResp(err error) ErrResp {
	if d, ok := asDetail(err); ok {
		return ErrResp{Error: ErrDetail{Code: d.base.Code, Msg: d.msg}}
	}
	if e, ok := asErr(err); ok {
		return ErrResp{Error: ErrDetail{Code: e.Code, Msg: e.Msg}}
	}
	return ErrResp{Error: ErrDetail{Code: "INTERNAL_ERROR", Msg: "internal error"}}
}

func Status(err error) int {
	if e, ok := asErr(err); ok {
		return e.Status
	}
	return http.StatusInternalServerError
}

func asErr(err error) (*Err, bool) {
	var e *Err
	if errors.As(err, &e) {
		return e, true
	}
	if e, ok := errors.Cause(err).(*Err); ok {
		return e, true
	}
	return nil, false
}

func asDetail(err error) (*detailErr, bool) {
	var d *detailErr
	if errors.As(err, &d) {
		return d, true
	}
	return nil, false
}

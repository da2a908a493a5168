package api

import (
	"encoding/base64"
	"encoding/json"
	"io"
	"mime"
	"net/http"
	"strings"

	"legalvault/cfg"
	"legalvault/pkg/domain"
	"legalvault/svc/svc"
	"legalvault/svc/util"

	"github.com/go-chi/chi/v5"
	"github.com/pkg/errors"
	"github.com/rs/zerolog/hlog"
)

type Hdl struct {
	lib *svc.Library
	cfg *cfg.Cfg
}

type SignUpReq struct {
	Email            string `json:"email"`
	DisplayName      string `json:"displayName"`
	Password         string `json:"password"`
	SecurityQuestion string `json:"securityQuestion"`
	SecurityAnswer   string `json:"securityAnswer"`
}
type LoginReq struct {
	Email    string `json:"email"`
	Password string `json:"password"`
}
type RecoverReq struct {
	Email       string `json:"email"`
	Answer      string `json:"answer"`
	NewPassword string `json:"newPassword"`
}
type ProfileReq struct {
	Email            string `json:"email"`
	DisplayName      string `json:"displayName"`
	SecurityQuestion string `json:"securityQuestion"`
	NewPassword      string `json:"newPassword,omitempty"`
	NewAnswer        string `json:"newAnswer,omitempty"`
}
type UnlockReq struct {
	Passphrase string `json:"passphrase"`
}
type AnalyzeReq struct {
	Name     string `json:"name"`
	MimeType string `json:"mimeType"`
	Language string `json:"language"`
	Base64   string `json:"base64"`
}

// decode reads a JSON body of at most MaxRequestSize bytes into v.
func (h *Hdl) decode(w http.ResponseWriter, r *http.Request, v interface{}) bool {
	requestID := util.GetRequestID(r.Context())
	mediaType, _, err := mime.ParseMediaType(r.Header.Get("Content-Type"))
	if err != nil || mediaType != "application/json" {
		w.WriteHeader(http.StatusUnsupportedMediaType)
		json.NewEncoder(w).Encode(map[string]string{
			"error":      "expected Content-Type: application/json",
			"request_id": requestID,
		})
		return false
	}
	if ce := r.Header.Get("Content-Encoding"); ce != "" {
		writeErr(w, domain.ErrInvalidRequest.WithMsg("compressed bodies are not accepted"), requestID)
		return false
	}
	r.Body = http.MaxBytesReader(w, r.Body, h.cfg.MaxRequestSize)
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		var tooLarge *http.MaxBytesError
		switch {
		case errors.As(err, &tooLarge):
			writeErr(w, domain.ErrInvalidRequest.WithMsg("request body too large"), requestID)
		case err == io.EOF:
			writeErr(w, domain.ErrInvalidRequest.WithMsg("empty request body"), requestID)
		default:
			hlog.FromRequest(r).Warn().Err(err).Msg("invalid request body")
			writeErr(w, domain.ErrInvalidRequest, requestID)
		}
		return false
	}
	return true
}
func (h *Hdl) fail(w http.ResponseWriter, r *http.Request, err error) {
	requestID := util.GetRequestID(r.Context())
	if errors.Is(err, svc.ErrShuttingDown) {
		w.WriteHeader(http.StatusServiceUnavailable)
		json.NewEncoder(w).Encode(map[string]string{
			"error":      "service shutting down",
			"request_id": requestID,
		})
		return
	}
	writeErr(w, err, requestID)
}
func respond(w http.ResponseWriter, status int, v interface{}) {
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func (h *Hdl) SignUp(w http.ResponseWriter, r *http.Request) {
	var req SignUpReq
	if !h.decode(w, r, &req) {
		return
	}
	a, err := h.lib.Register(r.Context(), req.Email, req.DisplayName, req.Password, req.SecurityQuestion, req.SecurityAnswer)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	respond(w, http.StatusCreated, a)
}
func (h *Hdl) Login(w http.ResponseWriter, r *http.Request) {
	var req LoginReq
	if !h.decode(w, r, &req) {
		return
	}
	a, err := h.lib.Login(r.Context(), req.Email, req.Password)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	respond(w, http.StatusOK, a)
}
func (h *Hdl) SecurityQuestion(w http.ResponseWriter, r *http.Request) {
	email := r.URL.Query().Get("email")
	if email == "" {
		h.fail(w, r, domain.ErrInvalidRequest.WithMsg("email is required"))
		return
	}
	q, err := h.lib.SecurityQuestion(r.Context(), email)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	respond(w, http.StatusOK, map[string]string{"securityQuestion": q})
}
func (h *Hdl) Recover(w http.ResponseWriter, r *http.Request) {
	var req RecoverReq
	if !h.decode(w, r, &req) {
		return
	}
	a, err := h.lib.RecoverAndLogin(r.Context(), req.Email, req.Answer, req.NewPassword)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	respond(w, http.StatusOK, a)
}
func (h *Hdl) Logout(w http.ResponseWriter, r *http.Request) {
	err := h.lib.Logout(r.Context(), tokenFrom(r))
	if err != nil && !errors.Is(err, domain.ErrSessionExpired) {
		h.fail(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
func (h *Hdl) UpdateProfile(w http.ResponseWriter, r *http.Request) {
	var req ProfileReq
	if !h.decode(w, r, &req) {
		return
	}
	upd := domain.ProfileUpdate{Email: req.Email, DisplayName: req.DisplayName, SecurityQuestion: req.SecurityQuestion}
	u, err := h.lib.UpdateProfile(r.Context(), tokenFrom(r), upd, req.NewPassword, req.NewAnswer)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	respond(w, http.StatusOK, u)
}
func (h *Hdl) Unlock(w http.ResponseWriter, r *http.Request) {
	var req UnlockReq
	if !h.decode(w, r, &req) {
		return
	}
	if err := h.lib.Unlock(r.Context(), tokenFrom(r), req.Passphrase); err != nil {
		h.fail(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
func (h *Hdl) Lock(w http.ResponseWriter, r *http.Request) {
	if err := h.lib.Lock(r.Context(), tokenFrom(r)); err != nil {
		h.fail(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
func (h *Hdl) History(w http.ResponseWriter, r *http.Request) {
	docs, err := h.lib.History(r.Context(), tokenFrom(r))
	if err != nil {
		h.fail(w, r, err)
		return
	}
	respond(w, http.StatusOK, docs)
}
func (h *Hdl) SaveHistory(w http.ResponseWriter, r *http.Request) {
	var docs []domain.Document
	if !h.decode(w, r, &docs) {
		return
	}
	if err := h.lib.SaveHistory(r.Context(), tokenFrom(r), docs); err != nil {
		h.fail(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
func (h *Hdl) AddDocument(w http.ResponseWriter, r *http.Request) {
	var doc domain.Document
	if !h.decode(w, r, &doc) {
		return
	}
	saved, err := h.lib.AddDocument(r.Context(), tokenFrom(r), doc)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	respond(w, http.StatusCreated, saved)
}
func (h *Hdl) ReplaceDocument(w http.ResponseWriter, r *http.Request) {
	var doc domain.Document
	if !h.decode(w, r, &doc) {
		return
	}
	id := chi.URLParam(r, "id")
	if doc.ID != "" && doc.ID != id {
		h.fail(w, r, domain.ErrInvalidRequest.WithMsg("document id does not match path"))
		return
	}
	doc.ID = id
	if err := h.lib.ReplaceDocument(r.Context(), tokenFrom(r), doc); err != nil {
		h.fail(w, r, err)
		return
	}
	respond(w, http.StatusOK, doc)
}
func (h *Hdl) Analyze(w http.ResponseWriter, r *http.Request) {
	var req AnalyzeReq
	if !h.decode(w, r, &req) {
		return
	}
	data, err := base64.StdEncoding.DecodeString(req.Base64)
	if err != nil {
		h.fail(w, r, domain.ErrInvalidRequest.WithMsg("document must be base64"))
		return
	}
	lang := strings.TrimSpace(req.Language)
	if lang == "" {
		lang = "English"
	}
	doc, err := h.lib.AnalyzeAndSave(r.Context(), tokenFrom(r), req.Name, req.MimeType, lang, data)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	respond(w, http.StatusCreated, doc)
}
func (h *Hdl) Drafts(w http.ResponseWriter, r *http.Request) {
	drafts, err := h.lib.Drafts(r.Context(), tokenFrom(r))
	if err != nil {
		h.fail(w, r, err)
		return
	}
	respond(w, http.StatusOK, drafts)
}
func (h *Hdl) SaveDrafts(w http.ResponseWriter, r *http.Request) {
	var drafts []domain.Draft
	if !h.decode(w, r, &drafts) {
		return
	}
	if err := h.lib.SaveDrafts(r.Context(), tokenFrom(r), drafts); err != nil {
		h.fail(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
func (h *Hdl) SaveDraft(w http.ResponseWriter, r *http.Request) {
	var draft domain.Draft
	if !h.decode(w, r, &draft) {
		return
	}
	saved, err := h.lib.SaveDraft(r.Context(), tokenFrom(r), draft)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	respond(w, http.StatusOK, saved)
}
func (h *Hdl) DeleteDraft(w http.ResponseWriter, r *http.Request) {
	if err := h.lib.DeleteDraft(r.Context(), tokenFrom(r), chi.URLParam(r, "id")); err != nil {
		h.fail(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

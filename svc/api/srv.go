package api

import (
	"context"
	"net/http"
	"time"

	"legalvault/cfg"
	"legalvault/svc/db"
	"legalvault/svc/lim"
	"legalvault/svc/svc"
	"legalvault/svc/util"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog/hlog"
)

type Server struct {
	router     *chi.Mux
	lib        *svc.Library
	lim        *lim.Limiter
	cfg        *cfg.Cfg
	store      db.Store
	httpServer *http.Server
}

func NewServer(c *cfg.Cfg, lib *svc.Library, l *lim.Limiter, store db.Store) *Server {
	r := chi.NewRouter()
	mw := NewMw(l, c)
	s := &Server{
		router: r,
		lib:    lib,
		lim:    l,
		cfg:    c,
		store:  store,
		httpServer: &http.Server{
			Addr:           ":" + c.Port,
			Handler:        r,
			ReadTimeout:    15 * time.Second,
			WriteTimeout:   30 * time.Second,
			IdleTimeout:    60 * time.Second,
			MaxHeaderBytes: 64 * 1024,
		},
	}
	r.Group(func(r chi.Router) {
		r.Use(mw.Recoverer)
		r.Get("/health", s.Health)
		r.Get("/ready", s.Ready)
	})
	r.Group(func(r chi.Router) {
		r.Use(mw.Recoverer)
		r.Handle("/metrics", mw.BasicAuthMetrics(promhttp.Handler()))
	})
	if c.Environment == "development" {
		r.Mount("/debug", middleware.Profiler())
	}

	r.Group(func(r chi.Router) {
		r.Use(mw.Recoverer)
		r.Use(mw.RequestID)
		r.Use(hlog.NewHandler(util.GetLogger()))
		r.Use(hlog.AccessHandler(func(req *http.Request, status, size int, dur time.Duration) {
			hlog.FromRequest(req).Info().
				Str("method", req.Method).
				Str("path", req.URL.Path).
				Int("status", status).
				Int("size", size).
				Dur("duration", dur).
				Str("request_id", util.GetRequestID(req.Context())).
				Msg("http request")
		}))
		r.Use(mw.ContextTimeout)
		r.Use(mw.SecurityHeaders)
		r.Use(mw.CORS)
		r.Use(mw.JSONContentType)
		r.Use(mw.ErrorRate)
		r.Use(mw.Duration)
		hdl := &Hdl{lib: lib, cfg: c}

		r.Route("/auth", func(r chi.Router) {
			r.Use(mw.RateLimit("auth"))
			r.Post("/signup", hdl.SignUp)
			r.Post("/login", hdl.Login)
			r.Get("/question", hdl.SecurityQuestion)
			r.Post("/recover", hdl.Recover)
			r.With(mw.Bearer).Post("/logout", hdl.Logout)
		})
		r.With(mw.RateLimit("auth"), mw.Bearer).Put("/profile", hdl.UpdateProfile)
		r.Route("/vault", func(r chi.Router) {
			r.Use(mw.RateLimit("vault"))
			r.Use(mw.Bearer)
			r.Post("/unlock", hdl.Unlock)
			r.Post("/lock", hdl.Lock)
			r.Get("/history", hdl.History)
			r.Put("/history", hdl.SaveHistory)
			r.Post("/history", hdl.AddDocument)
			r.Put("/history/{id}", hdl.ReplaceDocument)
			r.Post("/analyze", hdl.Analyze)
			r.Get("/drafts", hdl.Drafts)
			r.Put("/drafts", hdl.SaveDrafts)
			r.Post("/drafts", hdl.SaveDraft)
			r.Delete("/drafts/{id}", hdl.DeleteDraft)
		})
	})
	return s
}
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}
func (s *Server) Start() error {
	util.Info().Str("port", s.cfg.Port).Msg("starting server")
	if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		util.Error().Err(err).Str("port", s.cfg.Port).Msg("server failed to start")
		return err
	}
	return nil
}
func (s *Server) Shutdown(ctx context.Context) error {
	if s.httpServer != nil {
		return s.httpServer.Shutdown(ctx)
	}
	return nil
}

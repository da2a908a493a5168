package main

import (
	"context"
	"encoding/base64"
	"os"
	"os/signal"
	"syscall"
	"time"

	"legalvault/cfg"
	"legalvault/pkg/kms"
	"legalvault/svc/api"
	"legalvault/svc/auth"
	"legalvault/svc/cache"
	"legalvault/svc/creds"
	"legalvault/svc/db"
	"legalvault/svc/lim"
	"legalvault/svc/svc"
	"legalvault/svc/util"
	"legalvault/svc/vault"

	"github.com/pkg/errors"
)

func main() {
	if len(os.Args) > 1 && os.Args[1] == "-health" {
		os.Exit(healthCheck())
	}

	c, err := cfg.Load()
	if err != nil {
		util.Fatal().Err(err).Msg("failed to load configuration")
		os.Exit(1)
	}
	if err := cfg.Validate(c); err != nil {
		util.Fatal().Err(err).Msg("invalid configuration")
		os.Exit(1)
	}
	defer c.Wipe()
	util.InitLog(c.LogLevel, c.Environment == "development")
	util.Info().Msg("starting legalvault API")
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	kmsAdapter, err := kms.NewAdapter(ctx)
	if err != nil {
		util.Fatal().Err(err).Msg("failed to initialize KMS adapter")
		os.Exit(1)
	}
	util.Info().Str("provider", kmsAdapter.Primary()).Msg("KMS adapter initialized")

	pepper, err := loadSecret(ctx, kmsAdapter, "ARGON2_PEPPER", c.PepperFromKMS, c.Pepper)
	if err != nil {
		util.Fatal().Err(err).Msg("CRITICAL: failed to load pepper")
		os.Exit(1)
	}
	defer util.Wipe(pepper)
	tokenKey, err := loadSecret(ctx, kmsAdapter, "SESSION_TOKEN_KEY", c.TokenKeyFromKMS, c.TokenKey)
	if err != nil {
		util.Fatal().Err(err).Msg("CRITICAL: failed to load session token key")
		os.Exit(1)
	}
	tokens, err := util.NewTokenSealer(tokenKey)
	util.Wipe(tokenKey)
	if err != nil {
		util.Fatal().Err(err).Msg("failed to init session token sealer")
		os.Exit(1)
	}

	quitWAL := make(chan struct{})
	store, err := openStore(c, quitWAL)
	if err != nil {
		util.Fatal().Err(err).Str("backend", c.StoreBackend).Msg("failed to initialize store")
		os.Exit(1)
	}
	defer store.Close()
	util.Info().Str("backend", c.StoreBackend).Msg("store initialized")

	hasher, err := auth.NewHasher(auth.HasherParams{
		Time:        c.Argon2Time,
		Memory:      c.Argon2Memory,
		Parallelism: c.Argon2Parallelism,
		VerifyFloor: c.VerifyFloor,
	}, pepper)
	if err != nil {
		util.Fatal().Err(err).Msg("failed to initialize hasher")
		os.Exit(1)
	}
	if err := hasher.Start(c.HasherWorkerCount); err != nil {
		util.Fatal().Err(err).Msg("failed to start hasher")
		os.Exit(1)
	}
	defer hasher.Stop()
	util.Info().Int("workers", c.HasherWorkerCount).Msg("hasher initialized")

	sessions, err := cache.NewSessions(c.SessionCacheSize, c.SessionIdleTTL)
	if err != nil {
		util.Fatal().Err(err).Msg("failed to create session cache")
		os.Exit(1)
	}
	quitJanitor := make(chan struct{})
	go sessions.RunJanitor(time.Minute, quitJanitor)
	util.Info().
		Int("size", c.SessionCacheSize).
		Dur("idle_ttl", c.SessionIdleTTL).
		Msg("session cache initialized")

	manager := auth.NewManager(creds.New(store), hasher)
	lib := svc.NewLibrary(manager, store, sessions, tokens, nil, svc.Options{
		Vault:    vault.Options{Iterations: c.PBKDF2Iterations},
		TokenTTL: c.SessionTokenTTL,
	})

	limiter, err := lim.New(c.RateLimit.RPM, c.RateLimit.Burst, c.TrustedProxies)
	if err != nil {
		util.Fatal().Err(err).Msg("failed to create rate limiter")
		os.Exit(1)
	}
	defer limiter.Stop()
	util.Info().
		Int("rpm", c.RateLimit.RPM).
		Int("burst", c.RateLimit.Burst).
		Strs("trusted_proxies", c.TrustedProxies).
		Msg("rate limiter initialized")

	server := api.NewServer(c, lib, limiter, store)

	util.Info().Str("port", c.Port).Str("environment", c.Environment).Msg("server starting")
	go func() {
		if err := server.Start(); err != nil {
			util.Fatal().Err(err).Msg("server failed")
			os.Exit(1)
		}
	}()
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	<-sigCh
	util.Info().Msg("shutting down gracefully...")
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		util.Error().Err(err).Msg("server shutdown error")
	}
	lib.Shutdown()
	close(quitJanitor)
	close(quitWAL)
	cancel()
	util.Info().Msg("Shutdown complete")
}

// loadSecret returns a copy of the named secret, either base64 from the KMS
// or raw from the environment-backed config value.
func loadSecret(ctx context.Context, a *kms.Adapter, key string, fromKMS bool, local cfg.Secret) ([]byte, error) {
	var out []byte
	if fromKMS {
		b64, err := a.GetSecret(ctx, key)
		if err != nil {
			return nil, errors.Wrapf(err, "kms %s", key)
		}
		out, err = base64.StdEncoding.DecodeString(b64)
		if err != nil {
			return nil, errors.Wrapf(err, "invalid %s format", key)
		}
	} else {
		out = append([]byte(nil), local.Bytes()...)
	}
	if len(out) < 32 {
		util.Wipe(out)
		return nil, errors.Errorf("%s too short, must be >= 32 bytes", key)
	}
	return out, nil
}

func openStore(c *cfg.Cfg, quitWAL <-chan struct{}) (db.Store, error) {
	switch c.StoreBackend {
	case cfg.BackendSQLite:
		s, err := db.NewSQLiteWithConfig(c.DatabasePath, c.DBMaxOpenConns, c.DBMaxIdleConns, c.DBQueryTimeout)
		if err != nil {
			return nil, err
		}
		go s.RunWALMaintenance(c.WALCheckpointInterval, quitWAL)
		return s, nil
	case cfg.BackendRedis:
		return db.NewRedis(c.RedisURL, c)
	case cfg.BackendMemory:
		util.Warn().Msg("memory store selected, accounts and vaults are lost on restart")
		return db.NewMemory(), nil
	}
	return nil, errors.Errorf("unknown store backend %q", c.StoreBackend)
}

func healthCheck() int {
	if backend := os.Getenv("STORE_BACKEND"); backend != "" && backend != cfg.BackendSQLite {
		return 0
	}
	dbPath := os.Getenv("DATABASE_PATH")
	if dbPath == "" {
		dbPath = "legalvault.db"
	}
	s, err := db.NewSQLite(dbPath)
	if err != nil {
		return 1
	}
	defer s.Close()
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if err := s.Ping(ctx); err != nil {
		return 1
	}
	return 0
}

// Package app wires a workspace into a ready-to-use engine and auth service.
package app

import (
	"context"
	"crypto/rand"
	"database/sql"
	"encoding/hex"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"cointap/internal/cache"
	"cointap/internal/config"
	"cointap/internal/db"
	"cointap/internal/engine"
	"cointap/internal/engine/auth"
	"cointap/internal/migrate"
	"cointap/internal/notify"
)

type Options struct {
	Workspace string
	// JWTSecret overrides the workspace secret file.
	JWTSecret string
	Logger    zerolog.Logger
	Now       func() time.Time
	// Mailer replaces the configured delivery, mainly for tests.
	Mailer notify.Mailer
	// PersistGate keeps watched ads across processes regardless of config.
	PersistGate bool
}

// Runtime is an opened workspace.
type Runtime struct {
	DB     *sql.DB
	Config *config.Config
	Engine engine.Engine
	Auth   auth.Service
	Codes  cache.Store
	Log    zerolog.Logger

	closers []func() error
}

// Open loads cointap.yml (defaults when absent), migrates the database and builds
// the engine, the code cache and the mailer.
func Open(ctx context.Context, opts Options) (*Runtime, error) {
	cfg, err := config.LoadOptional(opts.Workspace)
	if err != nil {
		return nil, err
	}
	conn, err := db.Open(db.Config{Workspace: opts.Workspace})
	if err != nil {
		return nil, err
	}
	rt := &Runtime{DB: conn, Config: cfg, Log: opts.Logger}
	rt.closers = append(rt.closers, conn.Close)
	if err := migrate.Migrate(ctx, conn); err != nil {
		rt.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}

	now := opts.Now
	if now == nil {
		now = time.Now
	}
	eng := engine.New(conn, cfg)
	eng.Now = now
	eng.Log = opts.Logger
	eng.PersistGate = opts.PersistGate
	rt.Engine = eng
	rt.closers = append(rt.closers, func() error { eng.Close(); return nil })

	codes, err := rt.openCodes(ctx, now)
	if err != nil {
		rt.Close()
		return nil, err
	}
	rt.Codes = codes

	secret, err := ResolveSecret(opts.Workspace, opts.JWTSecret)
	if err != nil {
		rt.Close()
		return nil, err
	}
	mailer := opts.Mailer
	if mailer == nil {
		mailer = NewMailer(cfg, opts.Logger)
	}
	rt.Auth = auth.Service{
		Repo:   eng.Repo,
		Codes:  codes,
		Mailer: mailer,
		Tokens: auth.Tokens{
			Secret: secret,
			TTL:    cfg.Auth.TokenTTL.Std(),
			Issuer: cfg.Auth.Issuer,
			Now:    now,
		},
		Events:      eng.Events,
		TTL:         cfg.OTP.TTL.Std(),
		DefaultRate: cfg.Mining.DefaultRate,
		Now:         now,
		Log:         opts.Logger,
	}
	return rt, nil
}

func (rt *Runtime) openCodes(ctx context.Context, now func() time.Time) (cache.Store, error) {
	cfg := rt.Config
	switch cfg.OTP.Backend {
	case config.BackendMemory:
		m := cache.NewMemory()
		m.Now = now
		return m, nil
	case config.BackendRedis:
		r, err := cache.DialRedis(ctx, cfg.Redis.Addr, cfg.Redis.Password, cfg.Redis.DB, cfg.Redis.Prefix)
		if err != nil {
			return nil, err
		}
		rt.closers = append(rt.closers, r.Close)
		return r, nil
	default:
		return cache.SQL{DB: rt.DB, Now: now}, nil
	}
}

// RunSweeper removes expired codes until ctx ends. Redis expires keys itself, so
// it returns immediately for that backend.
func (rt *Runtime) RunSweeper(ctx context.Context) error {
	s, ok := rt.Codes.(cache.Sweeper)
	if !ok {
		return nil
	}
	return cache.RunSweeper(ctx, s, rt.Config.OTP.SweepInterval.Std())
}

// Close releases resources in reverse order of acquisition.
func (rt *Runtime) Close() error {
	var errs []error
	for i := len(rt.closers) - 1; i >= 0; i-- {
		if err := rt.closers[i](); err != nil {
			errs = append(errs, err)
		}
	}
	rt.closers = nil
	return errors.Join(errs...)
}

// NewMailer returns the SMTP mailer when a relay is configured, otherwise a mailer
// that logs messages.
func NewMailer(cfg *config.Config, log zerolog.Logger) notify.Mailer {
	if cfg.SMTP.Host == "" {
		return notify.LogMailer{Log: log}
	}
	return notify.SMTPMailer{
		Host:     cfg.SMTP.Host,
		Port:     cfg.SMTP.Port,
		Username: cfg.SMTP.Username,
		Password: cfg.SMTP.Password,
		From:     cfg.SMTP.From,
	}
}

const secretFile = "jwt.secret"

// ResolveSecret returns explicit when set. Otherwise it reads the workspace secret,
// creating a random one on first use so the CLI and server share tokens.
func ResolveSecret(workspace, explicit string) (string, error) {
	if s := strings.TrimSpace(explicit); s != "" {
		return s, nil
	}
	dir, err := db.EnsureWorkspace(workspace)
	if err != nil {
		return "", err
	}
	path := filepath.Join(dir, secretFile)
	data, err := os.ReadFile(path)
	if err == nil && len(strings.TrimSpace(string(data))) > 0 {
		return strings.TrimSpace(string(data)), nil
	}
	if err != nil && !os.IsNotExist(err) {
		return "", err
	}
	buf := make([]byte, 32)
	if _, err := rand.Read(buf); err != nil {
		return "", err
	}
	secret := hex.EncodeToString(buf)
	if err := os.WriteFile(path, []byte(secret+"\n"), 0o600); err != nil {
		return "", fmt.Errorf("write %s: %w", path, err)
	}
	return secret, nil
}

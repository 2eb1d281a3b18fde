package engine

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"cointap/internal/config"
	"cointap/internal/domain"
	"cointap/internal/events"
	"cointap/internal/mining"
	"cointap/internal/repo"
)

type Engine struct {
	DB     *sql.DB
	Repo   repo.Repo
	Events events.Writer
	Config *config.Config
	Now    func() time.Time
	Log    zerolog.Logger
	// PersistGate stores the engagement counter even when mining.persist_gate
	// is off. One-shot CLI processes need it to carry the gate between commands.
	PersistGate bool

	sessions *registry
}

func New(db *sql.DB, cfg *config.Config) Engine {
	if cfg == nil {
		cfg = config.Default()
	}
	return Engine{
		DB:       db,
		Repo:     repo.Repo{DB: db},
		Events:   events.Writer{},
		Config:   cfg,
		Now:      time.Now,
		Log:      zerolog.Nop(),
		sessions: newRegistry(),
	}
}

func (e Engine) now() time.Time {
	if e.Now != nil {
		return e.Now()
	}
	return time.Now()
}

// Close stops every session loop and flushes pending events.
func (e Engine) Close() {
	if e.sessions != nil {
		e.sessions.close()
	}
}

// CreateUserOptions are parameters for creating an account outside the OTP flow.
type CreateUserOptions struct {
	Email       string
	DisplayName string
	Role        string
	MiningRate  float64
}

// CreateUser registers an account directly. Used by the CLI and tests.
func (e Engine) CreateUser(ctx context.Context, opts CreateUserOptions) (domain.User, error) {
	email := repo.NormalizeEmail(opts.Email)
	if email == "" || !strings.Contains(email, "@") {
		return domain.User{}, fmt.Errorf("valid email required")
	}
	rate := opts.MiningRate
	if rate <= 0 {
		rate = e.Config.Mining.DefaultRate
	}
	role := opts.Role
	if role == "" {
		role = domain.RoleUser
	}
	if role != domain.RoleUser && role != domain.RoleAdmin {
		return domain.User{}, fmt.Errorf("role must be user or admin")
	}
	ts := repo.FormatTime(e.now())
	u := domain.User{
		ID:          uuid.NewString(),
		Email:       email,
		DisplayName: strings.TrimSpace(opts.DisplayName),
		MiningRate:  rate,
		Level:       1,
		Role:        role,
		CreatedAt:   ts,
		UpdatedAt:   ts,
	}
	if err := e.Repo.InsertUser(ctx, u); err != nil {
		return domain.User{}, err
	}
	if err := e.Events.Append(ctx, e.DB, "user.created", u.ID, events.EventPayload{"email": u.Email, "role": role}); err != nil {
		return domain.User{}, err
	}
	return e.Repo.GetUser(ctx, u.ID)
}

// ResolveUser accepts a user id or an email address.
func (e Engine) ResolveUser(ctx context.Context, ref string) (domain.User, error) {
	ref = strings.TrimSpace(ref)
	if ref == "" {
		return domain.User{}, mining.ErrNoPrincipal
	}
	if strings.Contains(ref, "@") {
		return e.Repo.GetUserByEmail(ctx, ref)
	}
	return e.Repo.GetUser(ctx, ref)
}

func (e Engine) Profile(ctx context.Context, userID string) (domain.User, error) {
	if userID == "" {
		return domain.User{}, mining.ErrNoPrincipal
	}
	return e.Repo.GetUser(ctx, userID)
}

// UpdateProfile changes the display name shown in rankings.
func (e Engine) UpdateProfile(ctx context.Context, userID, displayName string) (domain.User, error) {
	if userID == "" {
		return domain.User{}, mining.ErrNoPrincipal
	}
	name := strings.TrimSpace(displayName)
	if len(name) > 64 {
		return domain.User{}, fmt.Errorf("display name longer than 64 characters")
	}
	if err := e.Repo.UpdateDisplayName(ctx, userID, name, e.now()); err != nil {
		return domain.User{}, err
	}
	if err := e.Events.Append(ctx, e.DB, "user.updated", userID, events.EventPayload{"display_name": name}); err != nil {
		return domain.User{}, err
	}
	return e.Repo.GetUser(ctx, userID)
}

// SetMiningRate overrides the per-cycle credit for a user. A loaded session picks
// up the new rate for its next settlement.
func (e Engine) SetMiningRate(ctx context.Context, userID string, rate float64) (domain.User, error) {
	if rate <= 0 {
		return domain.User{}, fmt.Errorf("mining rate must be positive")
	}
	if err := e.Repo.SetMiningRate(ctx, userID, rate, e.now()); err != nil {
		return domain.User{}, err
	}
	if m := e.sessions.loaded(userID); m != nil {
		m.SetRate(rate)
	}
	if err := e.Events.Append(ctx, e.DB, "user.mining_rate_set", userID, events.EventPayload{"mining_rate": rate}); err != nil {
		return domain.User{}, err
	}
	return e.Repo.GetUser(ctx, userID)
}

// SetRole grants or revokes admin.
func (e Engine) SetRole(ctx context.Context, userID, role string) (domain.User, error) {
	if role != domain.RoleUser && role != domain.RoleAdmin {
		return domain.User{}, fmt.Errorf("role must be user or admin")
	}
	if err := e.Repo.SetRole(ctx, userID, role, e.now()); err != nil {
		return domain.User{}, err
	}
	return e.Repo.GetUser(ctx, userID)
}

// CreateAPIKey returns the plaintext key once; only its hash is stored.
func (e Engine) CreateAPIKey(ctx context.Context, userID, name string) (domain.APIKey, string, error) {
	if userID == "" {
		return domain.APIKey{}, "", mining.ErrNoPrincipal
	}
	if _, err := e.Repo.GetUser(ctx, userID); err != nil {
		return domain.APIKey{}, "", err
	}
	plain := "ctk_" + strings.ReplaceAll(uuid.NewString(), "-", "")
	key := domain.APIKey{
		ID:        uuid.NewString(),
		UserID:    userID,
		Name:      strings.TrimSpace(name),
		KeyHash:   repo.HashAPIKey(plain),
		CreatedAt: repo.FormatTime(e.now()),
	}
	if err := e.Repo.InsertAPIKey(ctx, key); err != nil {
		return domain.APIKey{}, "", err
	}
	return key, plain, nil
}

var errPositiveAmount = errors.New("amount must be positive")

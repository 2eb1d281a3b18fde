// Package auth implements email one-time-code sign in and session tokens.
package auth

import (
	"context"
	"crypto/rand"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"fmt"
	"math/big"
	"net/mail"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"cointap/internal/cache"
	"cointap/internal/domain"
	"cointap/internal/events"
	"cointap/internal/mining"
	"cointap/internal/notify"
	"cointap/internal/repo"
)

var (
	ErrInvalidOTP         = errors.New("invalid or expired code")
	ErrEmailRegistered    = errors.New("email already registered")
	ErrEmailNotRegistered = errors.New("email not registered")
	ErrInvalidEmail       = errors.New("invalid email address")
)

// Mode selects whether a code signs up a new account or signs in an existing one.
type Mode string

const (
	ModeRegister Mode = "register"
	ModeLogin    Mode = "login"
)

func ParseMode(s string) (Mode, error) {
	switch Mode(s) {
	case ModeRegister, ModeLogin:
		return Mode(s), nil
	case "":
		return ModeLogin, nil
	}
	return "", fmt.Errorf("mode must be register or login")
}

const (
	DefaultOTPTTL = 10 * time.Minute
	// MaxAttempts bounds the guesses checked against one code.
	MaxAttempts = 5
	codeDigits  = 6
)

type pendingCode struct {
	Code      string    `json:"code"`
	Mode      Mode      `json:"mode"`
	ExpiresAt time.Time `json:"expires_at"`
}

// Session is returned after a successful verification.
type Session struct {
	Token     string      `json:"token"`
	ExpiresAt time.Time   `json:"expires_at"`
	User      domain.User `json:"user"`
	Created   bool        `json:"created"`
}

// Service owns the OTP flow. Codes live in the injected cache, never in globals.
type Service struct {
	Repo        repo.Repo
	Codes       cache.Store
	Mailer      notify.Mailer
	Tokens      Tokens
	Events      events.Writer
	TTL         time.Duration
	DefaultRate float64
	Now         func() time.Time
	Log         zerolog.Logger
	// Generate returns a fresh code; crypto/rand digits when nil.
	Generate func() (string, error)
}

func (s Service) now() time.Time {
	if s.Now != nil {
		return s.Now()
	}
	return time.Now()
}

func (s Service) ttl() time.Duration {
	if s.TTL > 0 {
		return s.TTL
	}
	return DefaultOTPTTL
}

func codeKey(email string) string { return "otp:" + email }

// attemptsKey counts verifications of the current code. It lives beside the code
// so the count can be bumped atomically by the store.
func attemptsKey(email string) string { return "otp-attempts:" + email }

// GenerateCode returns a uniformly random 6 digit code.
func GenerateCode() (string, error) {
	n, err := rand.Int(rand.Reader, big.NewInt(1_000_000))
	if err != nil {
		return "", err
	}
	return fmt.Sprintf("%0*d", codeDigits, n.Int64()), nil
}

func normalize(email string) (string, error) {
	email = repo.NormalizeEmail(email)
	addr, err := mail.ParseAddress(email)
	if err != nil || addr.Address != email {
		return "", ErrInvalidEmail
	}
	return email, nil
}

// RequestOTP sends a code to email. Registration requires an unknown address and
// login a known one. A failed send removes the stored code.
func (s Service) RequestOTP(ctx context.Context, email string, mode Mode) error {
	email, err := normalize(email)
	if err != nil {
		return err
	}
	_, err = s.Repo.GetUserByEmail(ctx, email)
	switch {
	case err == nil && mode == ModeRegister:
		return ErrEmailRegistered
	case errors.Is(err, repo.ErrNotFound) && mode == ModeLogin:
		return ErrEmailNotRegistered
	case err != nil && !errors.Is(err, repo.ErrNotFound):
		return err
	}

	gen := s.Generate
	if gen == nil {
		gen = GenerateCode
	}
	code, err := gen()
	if err != nil {
		return fmt.Errorf("generate code: %w", err)
	}
	now := s.now()
	data, err := json.Marshal(pendingCode{Code: code, Mode: mode, ExpiresAt: now.Add(s.ttl())})
	if err != nil {
		return err
	}
	key := codeKey(email)
	if err := s.Codes.Delete(ctx, attemptsKey(email)); err != nil {
		return fmt.Errorf("reset attempts: %w", err)
	}
	if err := s.Codes.Set(ctx, key, string(data), s.ttl()); err != nil {
		return fmt.Errorf("store code: %w", err)
	}
	msg, err := notify.OTPMessage(email, code, s.ttl(), now)
	if err == nil {
		err = s.Mailer.Send(ctx, msg)
	}
	if err != nil {
		if derr := s.Codes.Delete(ctx, key); derr != nil {
			s.Log.Warn().Err(derr).Str("email", email).Msg("drop unsent code")
		}
		return fmt.Errorf("send code: %w", err)
	}
	s.Log.Info().Str("email", email).Str("mode", string(mode)).Msg("otp sent")
	return nil
}

// VerifyOTP consumes a code. On registration the account is created with the
// default balance, rate and tier.
func (s Service) VerifyOTP(ctx context.Context, email, code string) (Session, error) {
	email, err := normalize(email)
	if err != nil {
		return Session{}, err
	}
	key := codeKey(email)
	raw, ok, err := s.Codes.Get(ctx, key)
	if err != nil {
		return Session{}, fmt.Errorf("load code: %w", err)
	}
	if !ok {
		return Session{}, ErrInvalidOTP
	}
	var pending pendingCode
	if err := json.Unmarshal([]byte(raw), &pending); err != nil {
		_ = s.Codes.Delete(ctx, key)
		return Session{}, ErrInvalidOTP
	}
	// Every verification takes a numbered slot before the comparison, so no more
	// than MaxAttempts guesses are ever checked against one code.
	remaining := pending.ExpiresAt.Sub(s.now())
	if remaining <= 0 {
		_ = s.Codes.Delete(ctx, key)
		return Session{}, ErrInvalidOTP
	}
	attempt, err := s.Codes.Incr(ctx, attemptsKey(email), remaining)
	if err != nil {
		return Session{}, fmt.Errorf("count attempt: %w", err)
	}
	if attempt > MaxAttempts {
		_ = s.Codes.Delete(ctx, key)
		return Session{}, ErrInvalidOTP
	}
	if subtle.ConstantTimeCompare([]byte(pending.Code), []byte(code)) != 1 {
		if attempt == MaxAttempts {
			_ = s.Codes.Delete(ctx, key)
		}
		return Session{}, ErrInvalidOTP
	}
	if err := s.Codes.Delete(ctx, key); err != nil {
		return Session{}, fmt.Errorf("consume code: %w", err)
	}

	var (
		u       domain.User
		created bool
	)
	now := s.now()
	switch pending.Mode {
	case ModeRegister:
		u, err = s.createUser(ctx, email, now)
		if errors.Is(err, repo.ErrConflict) {
			return Session{}, ErrEmailRegistered
		}
		created = err == nil
	default:
		u, err = s.Repo.GetUserByEmail(ctx, email)
		if errors.Is(err, repo.ErrNotFound) {
			return Session{}, ErrEmailNotRegistered
		}
	}
	if err != nil {
		return Session{}, err
	}
	token, exp, err := s.Tokens.Issue(u)
	if err != nil {
		return Session{}, err
	}
	evt := "auth.login"
	if created {
		evt = "auth.registered"
	}
	if err := s.Events.Append(ctx, s.Repo.DB, evt, u.ID, events.EventPayload{"email": u.Email}); err != nil {
		s.Log.Warn().Err(err).Str("user_id", u.ID).Msg("append auth event")
	}
	return Session{Token: token, ExpiresAt: exp, User: u, Created: created}, nil
}

func (s Service) createUser(ctx context.Context, email string, now time.Time) (domain.User, error) {
	rate := s.DefaultRate
	if rate <= 0 {
		rate = mining.DefaultMiningRate
	}
	ts := repo.FormatTime(now)
	u := domain.User{
		ID:         uuid.NewString(),
		Email:      email,
		MiningRate: rate,
		Level:      1,
		Role:       domain.RoleUser,
		CreatedAt:  ts,
		UpdatedAt:  ts,
	}
	if err := s.Repo.InsertUser(ctx, u); err != nil {
		return domain.User{}, err
	}
	return s.Repo.GetUser(ctx, u.ID)
}

package server

import (
	"time"

	"cointap/internal/domain"
	"cointap/internal/engine"
	"cointap/internal/mining"
	"cointap/internal/repo"
)

// Request payloads

type OTPRequest struct {
	Email string `json:"email" format:"email"`
	Mode  string `json:"mode,omitempty" enum:"register,login"`
}

type OTPVerifyRequest struct {
	Email string `json:"email" format:"email"`
	Code  string `json:"code" minLength:"6" maxLength:"6"`
}

type UpdateProfileRequest struct {
	DisplayName string `json:"display_name" maxLength:"64"`
}

type TransferRequest struct {
	ToEmail string  `json:"to_email" format:"email"`
	Amount  float64 `json:"amount" exclusiveMinimum:"0"`
	Note    string  `json:"note,omitempty" maxLength:"140"`
}

type MiningRateRequest struct {
	MiningRate float64 `json:"mining_rate" exclusiveMinimum:"0"`
}

type CreateAPIKeyRequest struct {
	Name string `json:"name,omitempty"`
}

// Responses

type OTPRequestResponse struct {
	Sent      bool   `json:"sent"`
	Email     string `json:"email"`
	Mode      string `json:"mode"`
	ExpiresIn int64  `json:"expires_in_seconds"`
}

type SessionResponse struct {
	Token     string      `json:"token"`
	ExpiresAt string      `json:"expires_at" format:"date-time"`
	Created   bool        `json:"created"`
	User      domain.User `json:"user"`
}

type GateResponse struct {
	Required  int  `json:"required"`
	Completed int  `json:"completed"`
	Satisfied bool `json:"satisfied"`
}

type MiningResponse struct {
	Gate             GateResponse `json:"gate"`
	Phase            string       `json:"phase" enum:"idle,running,complete"`
	StartedAt        *string      `json:"started_at,omitempty" format:"date-time"`
	ReadyAt          *string      `json:"ready_at,omitempty" format:"date-time"`
	CanStart         bool         `json:"can_start"`
	ProgressPercent  float64      `json:"progress_percent"`
	RemainingSeconds int64        `json:"remaining_seconds"`
	Balance          float64      `json:"balance"`
	MiningRate       float64      `json:"mining_rate"`
	Collecting       bool         `json:"collecting"`
}

type CollectResponse struct {
	Amount      float64        `json:"amount"`
	Balance     float64        `json:"balance"`
	SettledAt   string         `json:"settled_at" format:"date-time"`
	NextReadyAt string         `json:"next_ready_at" format:"date-time"`
	Mining      MiningResponse `json:"mining"`
}

type TransferResponse struct {
	Transaction domain.Transaction `json:"transaction"`
	Balance     float64            `json:"balance"`
}

type APIKeyResponse struct {
	ID        string `json:"id"`
	Name      string `json:"name,omitempty"`
	CreatedAt string `json:"created_at" format:"date-time"`
	Key       string `json:"key,omitempty"`
}

type RankingsResponse struct {
	Items []domain.RankingEntry `json:"items"`
	Me    *domain.RankingEntry  `json:"me,omitempty"`
}

type paginatedTransactions struct {
	Items      []domain.Transaction `json:"items"`
	NextCursor string               `json:"next_cursor,omitempty"`
}

// MiningEvent is streamed on /me/events for every machine transition.
type MiningEvent struct {
	Kind    string       `json:"kind"`
	At      string       `json:"at" format:"date-time"`
	Gate    GateResponse `json:"gate"`
	Phase   string       `json:"phase"`
	ReadyAt *string      `json:"ready_at,omitempty" format:"date-time"`
	Amount  float64      `json:"amount,omitempty"`
	Balance float64      `json:"balance,omitempty"`
	Error   string       `json:"error,omitempty"`
}

func timePtr(t time.Time) *string {
	if t.IsZero() {
		return nil
	}
	s := repo.FormatTime(t)
	return &s
}

func gateResponse(g mining.GateState) GateResponse {
	return GateResponse{Required: g.Required, Completed: g.Completed, Satisfied: g.Satisfied()}
}

func miningResponse(s mining.Snapshot) MiningResponse {
	return MiningResponse{
		Gate:             gateResponse(s.Gate),
		Phase:            string(s.Cycle.Phase),
		StartedAt:        timePtr(s.Cycle.StartedAt),
		ReadyAt:          timePtr(s.Cycle.ReadyAt),
		CanStart:         s.CanStart,
		ProgressPercent:  s.Progress,
		RemainingSeconds: s.RemainingSeconds,
		Balance:          s.Balance,
		MiningRate:       s.Rate,
		Collecting:       s.Collecting,
	}
}

func miningEvent(evt mining.Event) MiningEvent {
	out := MiningEvent{
		Kind:    engine.EventType(evt.Kind),
		At:      repo.FormatTime(evt.At),
		Gate:    gateResponse(evt.Gate),
		Phase:   string(evt.Cycle.Phase),
		ReadyAt: timePtr(evt.Cycle.ReadyAt),
		Amount:  evt.Amount,
		Balance: evt.Balance,
	}
	if evt.Err != nil {
		out.Error = evt.Err.Error()
	}
	return out
}

func apiKeyResponse(k domain.APIKey, plain string) APIKeyResponse {
	return APIKeyResponse{ID: k.ID, Name: k.Name, CreatedAt: k.CreatedAt, Key: plain}
}

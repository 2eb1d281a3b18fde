package engine

import (
	"context"
	"fmt"
	"strings"

	"github.com/google/uuid"

	"cointap/internal/domain"
	"cointap/internal/events"
	"cointap/internal/mining"
	"cointap/internal/repo"
)

// DefaultTransactionLimit matches the wallet screen's recent activity list.
const DefaultTransactionLimit = 10

type TransactionFilters struct {
	UserID          string
	Limit           int
	CursorCreatedAt string
	CursorID        string
}

// Transactions lists a user's wallet activity newest first.
func (e Engine) Transactions(ctx context.Context, f TransactionFilters) ([]domain.Transaction, error) {
	if f.UserID == "" {
		return nil, mining.ErrNoPrincipal
	}
	limit := f.Limit
	if limit <= 0 {
		limit = DefaultTransactionLimit
	}
	return e.Repo.ListTransactionsWithCursor(ctx, f.UserID, limit, f.CursorCreatedAt, f.CursorID)
}

type TransferOptions struct {
	FromUserID string
	ToEmail    string
	Amount     float64
	Note       string
}

// Transfer sends coins to another account and refreshes any loaded balances.
func (e Engine) Transfer(ctx context.Context, opts TransferOptions) (repo.TransferResult, error) {
	if opts.FromUserID == "" {
		return repo.TransferResult{}, mining.ErrNoPrincipal
	}
	if opts.Amount <= 0 {
		return repo.TransferResult{}, errPositiveAmount
	}
	if strings.TrimSpace(opts.ToEmail) == "" {
		return repo.TransferResult{}, fmt.Errorf("recipient email required")
	}
	res, err := e.Repo.TransferCoins(ctx, repo.Transfer{
		FromUserID: opts.FromUserID,
		ToEmail:    opts.ToEmail,
		Amount:     opts.Amount,
		Note:       strings.TrimSpace(opts.Note),
		OutID:      uuid.NewString(),
		InID:       uuid.NewString(),
		At:         e.now(),
	})
	if err != nil {
		return repo.TransferResult{}, err
	}
	e.refreshBalance(ctx, opts.FromUserID)
	e.refreshBalance(ctx, res.RecipientID)
	if err := e.Events.Append(ctx, e.DB, "wallet.transfer", opts.FromUserID, events.EventPayload{
		"to":     res.RecipientID,
		"amount": opts.Amount,
	}); err != nil {
		e.Log.Warn().Err(err).Str("user_id", opts.FromUserID).Msg("append transfer event")
	}
	return res, nil
}

// refreshBalance reloads a loaded session's balance from the store. The read waits
// for any settlement in flight, so a credit that lands first is never overwritten
// by the transfer's older view.
func (e Engine) refreshBalance(ctx context.Context, userID string) {
	m := e.sessions.loaded(userID)
	if m == nil {
		return
	}
	_, err := m.RefreshBalance(ctx, func(ctx context.Context) (float64, error) {
		u, err := e.Repo.GetUser(ctx, userID)
		return u.Coins, err
	})
	if err != nil {
		e.Log.Warn().Err(err).Str("user_id", userID).Msg("refresh balance")
	}
}

// Rankings is the global leaderboard page plus the caller's own position.
type Rankings struct {
	Entries []domain.RankingEntry `json:"entries"`
	Me      *domain.RankingEntry  `json:"me,omitempty"`
}

func (e Engine) Rankings(ctx context.Context, userID string, limit, offset int) (Rankings, error) {
	entries, err := e.Repo.ListRankings(ctx, limit, offset)
	if err != nil {
		return Rankings{}, err
	}
	out := Rankings{Entries: entries}
	if userID != "" {
		me, err := e.Repo.RankOf(ctx, userID)
		if err != nil {
			return Rankings{}, err
		}
		out.Me = &me
	}
	return out, nil
}

package repo

import (
	"context"

	"cointap/internal/domain"
)

// ListRankings orders users by balance; ties go to the older account.
func (r Repo) ListRankings(ctx context.Context, limit, offset int) ([]domain.RankingEntry, error) {
	if limit <= 0 {
		limit = 50
	}
	if offset < 0 {
		offset = 0
	}
	rows, err := r.DB.QueryContext(ctx, `SELECT id,email,display_name,coins FROM users ORDER BY coins DESC, created_at ASC, id ASC LIMIT ? OFFSET ?`, limit, offset)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.RankingEntry
	for rows.Next() {
		var e domain.RankingEntry
		var email string
		if err := rows.Scan(&e.UserID, &email, &e.DisplayName, &e.Coins); err != nil {
			return nil, err
		}
		if e.DisplayName == "" {
			e.DisplayName = maskEmail(email)
		}
		e.Position = offset + len(res) + 1
		e.Rank = domain.TierFor(e.Coins)
		res = append(res, e)
	}
	return res, rows.Err()
}

// RankOf returns the 1-based position of a user in ListRankings order.
func (r Repo) RankOf(ctx context.Context, userID string) (domain.RankingEntry, error) {
	u, err := r.GetUser(ctx, userID)
	if err != nil {
		return domain.RankingEntry{}, err
	}
	var ahead int
	err = r.DB.QueryRowContext(ctx, `SELECT COUNT(*) FROM users
WHERE coins > ? OR (coins = ? AND (created_at < ? OR (created_at = ? AND id < ?)))`,
		u.Coins, u.Coins, u.CreatedAt, u.CreatedAt, u.ID).Scan(&ahead)
	if err != nil {
		return domain.RankingEntry{}, err
	}
	name := u.DisplayName
	if name == "" {
		name = maskEmail(u.Email)
	}
	return domain.RankingEntry{Position: ahead + 1, UserID: u.ID, DisplayName: name, Coins: u.Coins, Rank: u.Rank}, nil
}

func maskEmail(email string) string {
	for i, c := range email {
		if c == '@' {
			if i <= 1 {
				return email[:i] + "***"
			}
			return email[:2] + "***"
		}
	}
	return email
}

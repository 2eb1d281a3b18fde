package repo

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"cointap/internal/domain"
)

const userColumns = `id,email,display_name,coins,mining_rate,last_mined,ready_at,ads_watched,level,role,created_at,updated_at`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanUser(row rowScanner) (domain.User, error) {
	var u domain.User
	var lastMined, readyAt sql.NullString
	err := row.Scan(&u.ID, &u.Email, &u.DisplayName, &u.Coins, &u.MiningRate, &lastMined, &readyAt,
		&u.AdsWatched, &u.Level, &u.Role, &u.CreatedAt, &u.UpdatedAt)
	if err == sql.ErrNoRows {
		return u, ErrNotFound
	}
	if err != nil {
		return u, err
	}
	u.LastMined = stringPtr(lastMined)
	u.ReadyAt = stringPtr(readyAt)
	u.Rank = domain.TierFor(u.Coins)
	return u, nil
}

// InsertUser creates a user. A duplicate email returns ErrConflict.
func (r Repo) InsertUser(ctx context.Context, u domain.User) error {
	u.Email = NormalizeEmail(u.Email)
	if u.ID == "" || u.Email == "" {
		return fmt.Errorf("user id and email required")
	}
	if u.Role == "" {
		u.Role = domain.RoleUser
	}
	if u.Level == 0 {
		u.Level = 1
	}
	if u.UpdatedAt == "" {
		u.UpdatedAt = u.CreatedAt
	}
	tx, err := r.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	var n int
	if err := tx.QueryRowContext(ctx, `SELECT COUNT(*) FROM users WHERE email=?`, u.Email).Scan(&n); err != nil {
		return err
	}
	if n > 0 {
		return fmt.Errorf("email %s already registered: %w", u.Email, ErrConflict)
	}
	if _, err := tx.ExecContext(ctx, `INSERT INTO users(`+userColumns+`) VALUES (?,?,?,?,?,?,?,?,?,?,?,?)`,
		u.ID, u.Email, u.DisplayName, u.Coins, u.MiningRate, nullableStringPtr(u.LastMined), nullableStringPtr(u.ReadyAt),
		u.AdsWatched, u.Level, u.Role, u.CreatedAt, u.UpdatedAt); err != nil {
		return err
	}
	return tx.Commit()
}

func (r Repo) GetUser(ctx context.Context, id string) (domain.User, error) {
	return scanUser(r.DB.QueryRowContext(ctx, `SELECT `+userColumns+` FROM users WHERE id=?`, id))
}

func (r Repo) GetUserByEmail(ctx context.Context, email string) (domain.User, error) {
	return scanUser(r.DB.QueryRowContext(ctx, `SELECT `+userColumns+` FROM users WHERE email=?`, NormalizeEmail(email)))
}

// ListUsersWithCursor pages users oldest first.
func (r Repo) ListUsersWithCursor(ctx context.Context, limit int, cursorCreatedAt, cursorID string) ([]domain.User, error) {
	var clauses []string
	var args []any
	if cursorCreatedAt != "" && cursorID != "" {
		clauses = append(clauses, "(created_at > ? OR (created_at = ? AND id > ?))")
		args = append(args, cursorCreatedAt, cursorCreatedAt, cursorID)
	}
	query := `SELECT ` + userColumns + ` FROM users`
	if len(clauses) > 0 {
		query += " WHERE " + strings.Join(clauses, " AND ")
	}
	query += ` ORDER BY created_at ASC, id ASC`
	if limit > 0 {
		query += " LIMIT ?"
		args = append(args, limit)
	}
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.User
	for rows.Next() {
		u, err := scanUser(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, u)
	}
	return res, rows.Err()
}

func (r Repo) updateUser(ctx context.Context, id, set string, args ...any) error {
	args = append(args, id)
	res, err := r.DB.ExecContext(ctx, `UPDATE users SET `+set+` WHERE id=?`, args...)
	if err != nil {
		return err
	}
	affected, _ := res.RowsAffected()
	if affected == 0 {
		return ErrNotFound
	}
	return nil
}

// SetReadyAt stores the durable cycle record; nil clears it.
func (r Repo) SetReadyAt(ctx context.Context, id string, readyAt *time.Time, now time.Time) error {
	return r.updateUser(ctx, id, `ready_at=?, updated_at=?`, nullableTime(readyAt), FormatTime(now))
}

func (r Repo) SetAdsWatched(ctx context.Context, id string, n int, now time.Time) error {
	return r.updateUser(ctx, id, `ads_watched=?, updated_at=?`, n, FormatTime(now))
}

func (r Repo) SetMiningRate(ctx context.Context, id string, rate float64, now time.Time) error {
	if rate <= 0 {
		return fmt.Errorf("mining rate must be positive")
	}
	return r.updateUser(ctx, id, `mining_rate=?, updated_at=?`, rate, FormatTime(now))
}

func (r Repo) SetRole(ctx context.Context, id, role string, now time.Time) error {
	return r.updateUser(ctx, id, `role=?, updated_at=?`, role, FormatTime(now))
}

func (r Repo) UpdateDisplayName(ctx context.Context, id, name string, now time.Time) error {
	return r.updateUser(ctx, id, `display_name=?, updated_at=?`, strings.TrimSpace(name), FormatTime(now))
}

// MiningCredit is one settled cycle.
type MiningCredit struct {
	UserID        string
	TransactionID string
	Amount        float64
	MinedAt       time.Time
	ReadyAt       time.Time
}

// CreditMining applies a settlement in one transaction: coins, last_mined, the
// cleared cycle record, the re-armed gate counter and the mining transaction row.
// The update only matches while ready_at still holds the settled cycle, so a
// cycle is never credited twice. Returns the new balance.
func (r Repo) CreditMining(ctx context.Context, c MiningCredit) (float64, error) {
	tx, err := r.DB.BeginTx(ctx, nil)
	if err != nil {
		return 0, err
	}
	defer tx.Rollback()
	minedAt := FormatTime(c.MinedAt)
	res, err := tx.ExecContext(ctx, `UPDATE users SET coins=coins+?, last_mined=?, ready_at=NULL, ads_watched=0, updated_at=?
WHERE id=? AND ready_at=?`, c.Amount, minedAt, minedAt, c.UserID, FormatTime(c.ReadyAt))
	if err != nil {
		return 0, err
	}
	if affected, _ := res.RowsAffected(); affected == 0 {
		if _, err := scanUser(tx.QueryRowContext(ctx, `SELECT `+userColumns+` FROM users WHERE id=?`, c.UserID)); err != nil {
			return 0, err
		}
		return 0, ErrStaleCycle
	}
	if err := insertTransaction(ctx, tx, domain.Transaction{
		ID:        c.TransactionID,
		UserID:    c.UserID,
		Type:      domain.TxMining,
		Amount:    c.Amount,
		Status:    domain.TxCompleted,
		CreatedAt: minedAt,
	}); err != nil {
		return 0, err
	}
	var balance float64
	if err := tx.QueryRowContext(ctx, `SELECT coins FROM users WHERE id=?`, c.UserID).Scan(&balance); err != nil {
		return 0, err
	}
	if err := tx.Commit(); err != nil {
		return 0, err
	}
	return balance, nil
}

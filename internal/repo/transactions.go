package repo

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"cointap/internal/domain"
)

func insertTransaction(ctx context.Context, exec execer, t domain.Transaction) error {
	_, err := exec.ExecContext(ctx, `INSERT INTO transactions(id,user_id,type,amount,status,counterparty_id,note,created_at) VALUES (?,?,?,?,?,?,?,?)`,
		t.ID, t.UserID, t.Type, t.Amount, t.Status, nullableStringPtr(t.CounterpartyID), t.Note, t.CreatedAt)
	return err
}

// ListTransactionsWithCursor returns a user's transactions newest first.
func (r Repo) ListTransactionsWithCursor(ctx context.Context, userID string, limit int, cursorCreatedAt, cursorID string) ([]domain.Transaction, error) {
	clauses := []string{"user_id=?"}
	args := []any{userID}
	if cursorCreatedAt != "" && cursorID != "" {
		clauses = append(clauses, "(created_at < ? OR (created_at = ? AND id < ?))")
		args = append(args, cursorCreatedAt, cursorCreatedAt, cursorID)
	}
	query := `SELECT id,user_id,type,amount,status,counterparty_id,note,created_at FROM transactions WHERE ` +
		strings.Join(clauses, " AND ") + ` ORDER BY created_at DESC, id DESC`
	if limit > 0 {
		query += " LIMIT ?"
		args = append(args, limit)
	}
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Transaction
	for rows.Next() {
		var t domain.Transaction
		var counterparty sql.NullString
		if err := rows.Scan(&t.ID, &t.UserID, &t.Type, &t.Amount, &t.Status, &counterparty, &t.Note, &t.CreatedAt); err != nil {
			return nil, err
		}
		t.CounterpartyID = stringPtr(counterparty)
		res = append(res, t)
	}
	return res, rows.Err()
}

type Transfer struct {
	FromUserID string
	ToEmail    string
	Amount     float64
	Note       string
	OutID      string
	InID       string
	At         time.Time
}

type TransferResult struct {
	Out              domain.Transaction `json:"transaction"`
	SenderBalance    float64            `json:"balance"`
	RecipientID      string             `json:"recipient_id"`
	RecipientBalance float64            `json:"-"`
}

// TransferCoins debits the sender and credits the recipient atomically, writing a
// transaction row on each side.
func (r Repo) TransferCoins(ctx context.Context, t Transfer) (TransferResult, error) {
	if t.Amount <= 0 {
		return TransferResult{}, fmt.Errorf("amount must be positive")
	}
	tx, err := r.DB.BeginTx(ctx, nil)
	if err != nil {
		return TransferResult{}, err
	}
	defer tx.Rollback()

	sender, err := scanUser(tx.QueryRowContext(ctx, `SELECT `+userColumns+` FROM users WHERE id=?`, t.FromUserID))
	if err != nil {
		return TransferResult{}, fmt.Errorf("sender: %w", err)
	}
	recipient, err := scanUser(tx.QueryRowContext(ctx, `SELECT `+userColumns+` FROM users WHERE email=?`, NormalizeEmail(t.ToEmail)))
	if err != nil {
		return TransferResult{}, fmt.Errorf("recipient %s: %w", t.ToEmail, err)
	}
	if recipient.ID == sender.ID {
		return TransferResult{}, fmt.Errorf("cannot transfer to yourself")
	}
	if sender.Coins < t.Amount {
		return TransferResult{}, fmt.Errorf("balance %.2f below %.2f: %w", sender.Coins, t.Amount, ErrInsufficientFunds)
	}
	at := FormatTime(t.At)
	if _, err := tx.ExecContext(ctx, `UPDATE users SET coins=coins-?, updated_at=? WHERE id=?`, t.Amount, at, sender.ID); err != nil {
		return TransferResult{}, err
	}
	if _, err := tx.ExecContext(ctx, `UPDATE users SET coins=coins+?, updated_at=? WHERE id=?`, t.Amount, at, recipient.ID); err != nil {
		return TransferResult{}, err
	}
	out := domain.Transaction{ID: t.OutID, UserID: sender.ID, Type: domain.TxTransferOut, Amount: -t.Amount,
		Status: domain.TxCompleted, CounterpartyID: &recipient.ID, Note: t.Note, CreatedAt: at}
	in := domain.Transaction{ID: t.InID, UserID: recipient.ID, Type: domain.TxTransferIn, Amount: t.Amount,
		Status: domain.TxCompleted, CounterpartyID: &sender.ID, Note: t.Note, CreatedAt: at}
	for _, row := range []domain.Transaction{out, in} {
		if err := insertTransaction(ctx, tx, row); err != nil {
			return TransferResult{}, err
		}
	}
	res := TransferResult{Out: out, RecipientID: recipient.ID}
	if err := tx.QueryRowContext(ctx, `SELECT coins FROM users WHERE id=?`, sender.ID).Scan(&res.SenderBalance); err != nil {
		return TransferResult{}, err
	}
	if err := tx.QueryRowContext(ctx, `SELECT coins FROM users WHERE id=?`, recipient.ID).Scan(&res.RecipientBalance); err != nil {
		return TransferResult{}, err
	}
	if err := tx.Commit(); err != nil {
		return TransferResult{}, err
	}
	return res, nil
}

package domain

// Rank tiers derived from a user's balance.
const (
	TierBronze = "Bronze"
	TierSilver = "Silver"
	TierGold   = "Gold"
)

const (
	RoleUser  = "user"
	RoleAdmin = "admin"
)

// Transaction types and statuses.
const (
	TxMining      = "mining"
	TxTransferOut = "transfer_out"
	TxTransferIn  = "transfer_in"

	TxCompleted = "completed"
)

type User struct {
	ID          string  `json:"id"`
	Email       string  `json:"email"`
	DisplayName string  `json:"display_name"`
	Coins       float64 `json:"coins"`
	MiningRate  float64 `json:"mining_rate"`
	LastMined   *string `json:"last_mined,omitempty" format:"date-time"`
	ReadyAt     *string `json:"ready_at,omitempty" format:"date-time"`
	AdsWatched  int     `json:"ads_watched"`
	Level       int     `json:"level"`
	Rank        string  `json:"rank" enum:"Bronze,Silver,Gold"`
	Role        string  `json:"role" enum:"user,admin"`
	CreatedAt   string  `json:"created_at" format:"date-time"`
	UpdatedAt   string  `json:"updated_at" format:"date-time"`
}

type Transaction struct {
	ID             string  `json:"id"`
	UserID         string  `json:"user_id"`
	Type           string  `json:"type" enum:"mining,transfer_out,transfer_in"`
	Amount         float64 `json:"amount"`
	Status         string  `json:"status"`
	CounterpartyID *string `json:"counterparty_id,omitempty"`
	Note           string  `json:"note,omitempty"`
	CreatedAt      string  `json:"created_at" format:"date-time"`
}

type RankingEntry struct {
	Position    int     `json:"position"`
	UserID      string  `json:"user_id"`
	DisplayName string  `json:"display_name"`
	Coins       float64 `json:"coins"`
	Rank        string  `json:"rank"`
}

type Event struct {
	ID      int64  `json:"id"`
	TS      string `json:"ts" format:"date-time"`
	Type    string `json:"type"`
	UserID  string `json:"user_id,omitempty"`
	Payload string `json:"payload_json"`
}

type APIKey struct {
	ID        string `json:"id"`
	UserID    string `json:"user_id"`
	Name      string `json:"name,omitempty"`
	KeyHash   string `json:"key_hash"`
	CreatedAt string `json:"created_at" format:"date-time"`
}

// TierFor maps a balance to its rank tier.
func TierFor(coins float64) string {
	switch {
	case coins >= 10000:
		return TierGold
	case coins >= 1000:
		return TierSilver
	default:
		return TierBronze
	}
}

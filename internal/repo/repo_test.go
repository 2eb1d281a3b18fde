package repo

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"cointap/internal/db"
	"cointap/internal/domain"
	"cointap/internal/migrate"
)

var base = time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)

func newTestRepo(t *testing.T) Repo {
	t.Helper()
	conn, err := db.Open(db.Config{Workspace: t.TempDir()})
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	require.NoError(t, migrate.Migrate(context.Background(), conn))
	return Repo{DB: conn}
}

func addUser(t *testing.T, r Repo, email string, coins float64, created time.Time) domain.User {
	t.Helper()
	u := domain.User{
		ID:         uuid.NewString(),
		Email:      email,
		Coins:      coins,
		MiningRate: 5,
		CreatedAt:  FormatTime(created),
	}
	require.NoError(t, r.InsertUser(context.Background(), u))
	got, err := r.GetUserByEmail(context.Background(), email)
	require.NoError(t, err)
	return got
}

func TestInsertAndGetUser(t *testing.T) {
	r := newTestRepo(t)
	ctx := context.Background()
	u := addUser(t, r, "Alice@Example.com", 0, base)
	assert.Equal(t, "alice@example.com", u.Email)
	assert.Equal(t, 1, u.Level)
	assert.Equal(t, domain.RoleUser, u.Role)
	assert.Equal(t, domain.TierBronze, u.Rank)
	assert.Nil(t, u.ReadyAt)

	err := r.InsertUser(ctx, domain.User{ID: uuid.NewString(), Email: "alice@example.com", CreatedAt: FormatTime(base)})
	require.ErrorIs(t, err, ErrConflict)

	_, err = r.GetUser(ctx, "nope")
	require.ErrorIs(t, err, ErrNotFound)
}

func TestReadyAtRoundTrip(t *testing.T) {
	r := newTestRepo(t)
	ctx := context.Background()
	u := addUser(t, r, "a@example.com", 0, base)
	readyAt := base.Add(12 * time.Hour)
	require.NoError(t, r.SetReadyAt(ctx, u.ID, &readyAt, base))

	got, err := r.GetUser(ctx, u.ID)
	require.NoError(t, err)
	require.NotNil(t, got.ReadyAt)
	parsed, err := ParseTime(*got.ReadyAt)
	require.NoError(t, err)
	assert.True(t, parsed.Equal(readyAt))

	require.NoError(t, r.SetReadyAt(ctx, u.ID, nil, base))
	got, _ = r.GetUser(ctx, u.ID)
	assert.Nil(t, got.ReadyAt)

	require.ErrorIs(t, r.SetReadyAt(ctx, "missing", nil, base), ErrNotFound)
}

func TestCreditMiningOnce(t *testing.T) {
	r := newTestRepo(t)
	ctx := context.Background()
	u := addUser(t, r, "a@example.com", 100, base)
	readyAt := base.Add(12 * time.Hour)
	require.NoError(t, r.SetReadyAt(ctx, u.ID, &readyAt, base))
	require.NoError(t, r.SetAdsWatched(ctx, u.ID, 2, base))

	credit := MiningCredit{UserID: u.ID, TransactionID: uuid.NewString(), Amount: 12.5, MinedAt: readyAt.Add(time.Minute), ReadyAt: readyAt}
	bal, err := r.CreditMining(ctx, credit)
	require.NoError(t, err)
	assert.Equal(t, 112.5, bal)

	got, err := r.GetUser(ctx, u.ID)
	require.NoError(t, err)
	assert.Nil(t, got.ReadyAt)
	assert.Equal(t, 0, got.AdsWatched)
	require.NotNil(t, got.LastMined)
	assert.Equal(t, FormatTime(credit.MinedAt), *got.LastMined)

	credit.TransactionID = uuid.NewString()
	_, err = r.CreditMining(ctx, credit)
	require.ErrorIs(t, err, ErrStaleCycle)

	txs, err := r.ListTransactionsWithCursor(ctx, u.ID, 10, "", "")
	require.NoError(t, err)
	require.Len(t, txs, 1)
	assert.Equal(t, domain.TxMining, txs[0].Type)
	assert.Equal(t, 12.5, txs[0].Amount)
}

func TestTransferCoins(t *testing.T) {
	r := newTestRepo(t)
	ctx := context.Background()
	alice := addUser(t, r, "alice@example.com", 50, base)
	bob := addUser(t, r, "bob@example.com", 0, base.Add(time.Second))

	res, err := r.TransferCoins(ctx, Transfer{FromUserID: alice.ID, ToEmail: "BOB@example.com", Amount: 20, OutID: uuid.NewString(), InID: uuid.NewString(), At: base})
	require.NoError(t, err)
	assert.Equal(t, 30.0, res.SenderBalance)
	assert.Equal(t, 20.0, res.RecipientBalance)
	assert.Equal(t, bob.ID, res.RecipientID)
	assert.Equal(t, -20.0, res.Out.Amount)

	_, err = r.TransferCoins(ctx, Transfer{FromUserID: alice.ID, ToEmail: "bob@example.com", Amount: 31, OutID: uuid.NewString(), InID: uuid.NewString(), At: base})
	require.ErrorIs(t, err, ErrInsufficientFunds)

	_, err = r.TransferCoins(ctx, Transfer{FromUserID: alice.ID, ToEmail: "alice@example.com", Amount: 1, OutID: uuid.NewString(), InID: uuid.NewString(), At: base})
	require.Error(t, err)

	_, err = r.TransferCoins(ctx, Transfer{FromUserID: alice.ID, ToEmail: "carol@example.com", Amount: 1, OutID: uuid.NewString(), InID: uuid.NewString(), At: base})
	require.ErrorIs(t, err, ErrNotFound)

	_, err = r.TransferCoins(ctx, Transfer{FromUserID: alice.ID, ToEmail: "bob@example.com", Amount: 0, At: base})
	require.Error(t, err)

	got, _ := r.GetUser(ctx, bob.ID)
	assert.Equal(t, 20.0, got.Coins)
}

func TestTransactionsCursor(t *testing.T) {
	r := newTestRepo(t)
	ctx := context.Background()
	alice := addUser(t, r, "alice@example.com", 1000, base)
	addUser(t, r, "bob@example.com", 0, base)
	for i := 0; i < 5; i++ {
		_, err := r.TransferCoins(ctx, Transfer{FromUserID: alice.ID, ToEmail: "bob@example.com", Amount: float64(i + 1),
			OutID: fmt.Sprintf("out-%d", i), InID: fmt.Sprintf("in-%d", i), At: base.Add(time.Duration(i) * time.Minute)})
		require.NoError(t, err)
	}
	page, err := r.ListTransactionsWithCursor(ctx, alice.ID, 3, "", "")
	require.NoError(t, err)
	require.Len(t, page, 3)
	assert.Equal(t, "out-4", page[0].ID)
	last := page[len(page)-1]
	rest, err := r.ListTransactionsWithCursor(ctx, alice.ID, 3, last.CreatedAt, last.ID)
	require.NoError(t, err)
	require.Len(t, rest, 2)
	assert.Equal(t, "out-1", rest[0].ID)
	assert.Equal(t, "out-0", rest[1].ID)
}

func TestRankings(t *testing.T) {
	r := newTestRepo(t)
	ctx := context.Background()
	a := addUser(t, r, "alice@example.com", 50, base)
	b := addUser(t, r, "bob@example.com", 5000, base.Add(time.Second))
	c := addUser(t, r, "carol@example.com", 50, base.Add(2*time.Second))

	list, err := r.ListRankings(ctx, 10, 0)
	require.NoError(t, err)
	require.Len(t, list, 3)
	assert.Equal(t, []string{b.ID, a.ID, c.ID}, []string{list[0].UserID, list[1].UserID, list[2].UserID})
	assert.Equal(t, domain.TierSilver, list[0].Rank)
	assert.Equal(t, "al***", list[1].DisplayName)

	own, err := r.RankOf(ctx, c.ID)
	require.NoError(t, err)
	assert.Equal(t, 3, own.Position)

	page, err := r.ListRankings(ctx, 1, 1)
	require.NoError(t, err)
	require.Len(t, page, 1)
	assert.Equal(t, 2, page[0].Position)
}

func TestAPIKeys(t *testing.T) {
	r := newTestRepo(t)
	ctx := context.Background()
	u := addUser(t, r, "a@example.com", 0, base)
	key := domain.APIKey{ID: "k1", UserID: u.ID, Name: "ci", KeyHash: HashAPIKey("secret")}
	require.NoError(t, r.InsertAPIKey(ctx, key))

	got, err := r.GetAPIKeyByHash(ctx, HashAPIKey(" secret "))
	require.NoError(t, err)
	assert.Equal(t, u.ID, got.UserID)

	keys, err := r.ListAPIKeys(ctx, u.ID)
	require.NoError(t, err)
	assert.Len(t, keys, 1)

	require.ErrorIs(t, r.DeleteAPIKey(ctx, "someone-else", "k1"), ErrNotFound)
	require.NoError(t, r.DeleteAPIKey(ctx, u.ID, "k1"))
	_, err = r.GetAPIKeyByHash(ctx, HashAPIKey("secret"))
	require.ErrorIs(t, err, ErrNotFound)
}

func TestEventsQueries(t *testing.T) {
	r := newTestRepo(t)
	ctx := context.Background()
	for i, typ := range []string{"mining.cycle_started", "mining.settled", "mining.cycle_started"} {
		_, err := r.DB.ExecContext(ctx, `INSERT INTO events(ts,type,user_id,payload_json) VALUES (?,?,?,?)`,
			FormatTime(base.Add(time.Duration(i)*time.Second)), typ, "u1", "{}")
		require.NoError(t, err)
	}
	latest, err := r.LatestEvents(ctx, 10, "u1", "mining.cycle_started")
	require.NoError(t, err)
	require.Len(t, latest, 2)
	assert.Greater(t, latest[0].ID, latest[1].ID)

	after, err := r.EventsAfter(ctx, 10, latest[1].ID, "")
	require.NoError(t, err)
	assert.Len(t, after, 2)

	id, err := r.LatestEventID(ctx, "")
	require.NoError(t, err)
	assert.Equal(t, latest[0].ID, id)
	id, err = r.LatestEventID(ctx, "other")
	require.NoError(t, err)
	assert.Zero(t, id)
}

package cache

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"cointap/internal/db"
	"cointap/internal/migrate"
)

type manualClock struct{ now time.Time }

func (c *manualClock) Now() time.Time          { return c.now }
func (c *manualClock) Advance(d time.Duration) { c.now = c.now.Add(d) }

func exerciseStore(t *testing.T, s Store, advance func(time.Duration)) {
	t.Helper()
	ctx := context.Background()

	_, ok, err := s.Get(ctx, "missing")
	require.NoError(t, err)
	assert.False(t, ok)

	require.NoError(t, s.Set(ctx, "otp:a@example.com", "123456", 10*time.Minute))
	v, ok, err := s.Get(ctx, "otp:a@example.com")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "123456", v)

	require.NoError(t, s.Set(ctx, "otp:a@example.com", "654321", 10*time.Minute))
	v, _, _ = s.Get(ctx, "otp:a@example.com")
	assert.Equal(t, "654321", v)

	advance(10*time.Minute + time.Second)
	_, ok, err = s.Get(ctx, "otp:a@example.com")
	require.NoError(t, err)
	assert.False(t, ok, "entry must expire")

	require.NoError(t, s.Set(ctx, "k", "v", time.Minute))
	require.NoError(t, s.Delete(ctx, "k"))
	_, ok, _ = s.Get(ctx, "k")
	assert.False(t, ok)
	require.NoError(t, s.Delete(ctx, "never-set"))

	exerciseCounter(t, s, advance)
}

func exerciseCounter(t *testing.T, s Store, advance func(time.Duration)) {
	t.Helper()
	ctx := context.Background()

	const workers = 20
	var wg sync.WaitGroup
	seen := make(chan int64, workers)
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			n, err := s.Incr(ctx, "attempts", time.Minute)
			assert.NoError(t, err)
			seen <- n
		}()
	}
	wg.Wait()
	close(seen)
	got := map[int64]bool{}
	for n := range seen {
		got[n] = true
	}
	assert.Len(t, got, workers, "every increment returns a distinct count")
	for i := int64(1); i <= workers; i++ {
		assert.True(t, got[i], "missing count %d", i)
	}

	advance(30 * time.Second)
	n, err := s.Incr(ctx, "attempts", time.Minute)
	require.NoError(t, err)
	assert.Equal(t, int64(workers+1), n)

	advance(31 * time.Second)
	n, err = s.Incr(ctx, "attempts", time.Minute)
	require.NoError(t, err)
	assert.Equal(t, int64(1), n, "an expired counter restarts")
}

func TestMemoryStore(t *testing.T) {
	clk := &manualClock{now: time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)}
	m := NewMemory()
	m.Now = clk.Now
	exerciseStore(t, m, clk.Advance)
}

func TestMemorySweep(t *testing.T) {
	ctx := context.Background()
	clk := &manualClock{now: time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)}
	m := NewMemory()
	m.Now = clk.Now
	require.NoError(t, m.Set(ctx, "short", "1", time.Minute))
	require.NoError(t, m.Set(ctx, "long", "2", time.Hour))
	clk.Advance(2 * time.Minute)

	n, err := m.Sweep(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	assert.Equal(t, 1, m.Len())
}

func TestRedisStore(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	defer client.Close()
	s := NewRedis(client, "cointap:")
	exerciseStore(t, s, mr.FastForward)

	require.NoError(t, s.Set(context.Background(), "x", "y", time.Minute))
	assert.True(t, mr.Exists("cointap:x"))
}

func TestDialRedisFailsFast(t *testing.T) {
	mr := miniredis.RunT(t)
	addr := mr.Addr()
	mr.Close()
	_, err := DialRedis(context.Background(), addr, "", 0, "")
	require.Error(t, err)
}

func TestSQLStore(t *testing.T) {
	ctx := context.Background()
	conn, err := db.Open(db.Config{Workspace: t.TempDir()})
	require.NoError(t, err)
	defer conn.Close()
	require.NoError(t, migrate.Migrate(ctx, conn))

	clk := &manualClock{now: time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)}
	s := SQL{DB: conn, Now: clk.Now}
	exerciseStore(t, s, clk.Advance)

	require.NoError(t, s.Set(ctx, "old", "1", time.Second))
	require.NoError(t, s.Set(ctx, "new", "2", time.Hour))
	clk.Advance(time.Minute)
	n, err := s.Sweep(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}

func TestRunSweeperStopsOnCancel(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- RunSweeper(ctx, NewMemory(), time.Millisecond) }()
	time.Sleep(5 * time.Millisecond)
	cancel()
	select {
	case err := <-done:
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(time.Second):
		t.Fatal("sweeper did not stop")
	}
}

package app

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"cointap/internal/cache"
	"cointap/internal/config"
	"cointap/internal/engine"
	"cointap/internal/engine/auth"
	"cointap/internal/mining"
	"cointap/internal/notify"
)

func TestOpenDefaults(t *testing.T) {
	ws := t.TempDir()
	rec := &notify.Recorder{}
	rt, err := Open(context.Background(), Options{Workspace: ws, Mailer: rec, Logger: zerolog.Nop()})
	require.NoError(t, err)
	defer rt.Close()

	assert.IsType(t, cache.SQL{}, rt.Codes)
	assert.Equal(t, config.Default(), rt.Config)

	ctx := context.Background()
	require.NoError(t, rt.Auth.RequestOTP(ctx, "a@example.com", auth.ModeRegister))
	msg, ok := rec.Last("a@example.com")
	require.True(t, ok)
	assert.NotEmpty(t, msg.Text)
}

func TestCodesSurviveReopen(t *testing.T) {
	ws := t.TempDir()
	ctx := context.Background()
	rec := &notify.Recorder{}
	codes := []string{"123456"}
	rt, err := Open(ctx, Options{Workspace: ws, Mailer: rec})
	require.NoError(t, err)
	rt.Auth.Generate = func() (string, error) { return codes[0], nil }
	require.NoError(t, rt.Auth.RequestOTP(ctx, "a@example.com", auth.ModeRegister))
	require.NoError(t, rt.Close())

	rt2, err := Open(ctx, Options{Workspace: ws, Mailer: rec})
	require.NoError(t, err)
	defer rt2.Close()
	sess, err := rt2.Auth.VerifyOTP(ctx, "a@example.com", "123456")
	require.NoError(t, err)
	assert.True(t, sess.Created)
}

func TestOpenRedisBackend(t *testing.T) {
	mr := miniredis.RunT(t)
	ws := t.TempDir()
	doc := "otp:\n  backend: redis\nredis:\n  addr: " + mr.Addr() + "\n"
	require.NoError(t, os.WriteFile(config.Path(ws), []byte(doc), 0o644))
	rt, err := Open(context.Background(), Options{Workspace: ws, Mailer: &notify.Recorder{}})
	require.NoError(t, err)
	defer rt.Close()
	assert.IsType(t, &cache.Redis{}, rt.Codes)
	assert.NoError(t, rt.RunSweeper(context.Background()))
}

func TestOpenMemoryBackendSweeps(t *testing.T) {
	ws := t.TempDir()
	require.NoError(t, os.WriteFile(config.Path(ws), []byte("otp:\n  backend: memory\n  sweep_interval: 5ms\n"), 0o644))
	rt, err := Open(context.Background(), Options{Workspace: ws, Mailer: &notify.Recorder{}})
	require.NoError(t, err)
	defer rt.Close()
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	assert.ErrorIs(t, rt.RunSweeper(ctx), context.DeadlineExceeded)
}

func TestPersistGateAcrossOpens(t *testing.T) {
	ws := t.TempDir()
	ctx := context.Background()
	open := func() *Runtime {
		rt, err := Open(ctx, Options{Workspace: ws, Mailer: &notify.Recorder{}, PersistGate: true})
		require.NoError(t, err)
		return rt
	}

	rt := open()
	u, err := rt.Engine.CreateUser(ctx, engine.CreateUserOptions{Email: "a@example.com"})
	require.NoError(t, err)
	_, err = rt.Engine.RecordEngagement(ctx, u.ID)
	require.NoError(t, err)
	require.NoError(t, rt.Close())

	rt = open()
	_, err = rt.Engine.RecordEngagement(ctx, u.ID)
	require.NoError(t, err)
	require.NoError(t, rt.Close())

	rt = open()
	defer rt.Close()
	snap, err := rt.Engine.StartMining(ctx, u.ID)
	require.NoError(t, err)
	assert.Equal(t, mining.PhaseRunning, snap.Cycle.Phase)
}

func TestResolveSecret(t *testing.T) {
	ws := t.TempDir()
	s1, err := ResolveSecret(ws, "")
	require.NoError(t, err)
	assert.Len(t, s1, 64)
	s2, err := ResolveSecret(ws, "")
	require.NoError(t, err)
	assert.Equal(t, s1, s2)
	s3, err := ResolveSecret(ws, " explicit ")
	require.NoError(t, err)
	assert.Equal(t, "explicit", s3)
}

func TestNewMailer(t *testing.T) {
	cfg := config.Default()
	assert.IsType(t, notify.LogMailer{}, NewMailer(cfg, zerolog.Nop()))
	cfg.SMTP.Host = "smtp.example.com"
	cfg.SMTP.From = "noreply@example.com"
	assert.IsType(t, notify.SMTPMailer{}, NewMailer(cfg, zerolog.Nop()))
}

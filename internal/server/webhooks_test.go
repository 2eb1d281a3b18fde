package server

import (
	"context"
	"encoding/json"
	"io"
	"net"
	"net/http"
	"sync"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"cointap/internal/app"
	"cointap/internal/config"
	"cointap/internal/events"
)

type delivery struct {
	Event  string
	Secret string
	Body   webhookEvent
}

func webhookSink(t *testing.T, status int) (string, func() []delivery) {
	t.Helper()
	var (
		mu  sync.Mutex
		got []delivery
	)
	ln, err := net.Listen("tcp4", "127.0.0.1:0")
	require.NoError(t, err)
	srv := &http.Server{Handler: http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		data, _ := io.ReadAll(r.Body)
		d := delivery{Event: r.Header.Get("X-Cointap-Event"), Secret: r.Header.Get("X-Cointap-Secret")}
		_ = json.Unmarshal(data, &d.Body)
		mu.Lock()
		got = append(got, d)
		mu.Unlock()
		w.WriteHeader(status)
	})}
	go srv.Serve(ln)
	t.Cleanup(func() {
		srv.Close()
		ln.Close()
	})
	return "http://" + ln.Addr().String() + "/hook", func() []delivery {
		mu.Lock()
		defer mu.Unlock()
		return append([]delivery(nil), got...)
	}
}

func newWebhookRuntime(t *testing.T, hooks ...config.Webhook) *app.Runtime {
	t.Helper()
	rt, err := app.Open(context.Background(), app.Options{
		Workspace: t.TempDir(),
		JWTSecret: "test-secret",
		Logger:    zerolog.Nop(),
	})
	require.NoError(t, err)
	t.Cleanup(func() { rt.Close() })
	rt.Engine.Config.Webhooks = hooks
	return rt
}

func appendEvent(t *testing.T, rt *app.Runtime, typ string, payload events.EventPayload) {
	t.Helper()
	require.NoError(t, rt.Engine.Events.Append(context.Background(), rt.DB, typ, "u1", payload))
}

func TestWebhookDeliversNewEventsOnly(t *testing.T) {
	url, deliveries := webhookSink(t, http.StatusOK)
	rt := newWebhookRuntime(t, config.Webhook{
		URL:    url,
		Events: []string{"mining.settled"},
		Secret: "shh",
	})
	ctx := context.Background()
	appendEvent(t, rt, "mining.settled", events.EventPayload{"amount": 1})

	d := newWebhookDispatcher(rt.Engine, zerolog.Nop())
	d.dispatchAll(ctx)
	assert.Empty(t, deliveries(), "events before the first poll are skipped")

	appendEvent(t, rt, "mining.cycle_started", nil)
	appendEvent(t, rt, "mining.settled", events.EventPayload{"amount": 5})
	d.dispatchAll(ctx)

	got := deliveries()
	require.Len(t, got, 1)
	assert.Equal(t, "mining.settled", got[0].Event)
	assert.Equal(t, "shh", got[0].Secret)
	assert.Equal(t, "u1", got[0].Body.UserID)
	assert.JSONEq(t, `{"amount":5}`, string(got[0].Body.Payload))

	d.dispatchAll(ctx)
	assert.Len(t, deliveries(), 1)
}

func TestWebhookRetriesAfterFailure(t *testing.T) {
	url, deliveries := webhookSink(t, http.StatusInternalServerError)
	rt := newWebhookRuntime(t, config.Webhook{URL: url})
	ctx := context.Background()

	d := newWebhookDispatcher(rt.Engine, zerolog.Nop())
	d.dispatchAll(ctx)
	appendEvent(t, rt, "wallet.transfer", nil)

	d.dispatchAll(ctx)
	d.dispatchAll(ctx)
	got := deliveries()
	require.Len(t, got, 2)
	assert.Equal(t, got[0].Body.ID, got[1].Body.ID)
}

func TestDisabledWebhookIsSkipped(t *testing.T) {
	url, deliveries := webhookSink(t, http.StatusOK)
	off := false
	rt := newWebhookRuntime(t, config.Webhook{URL: url, Enabled: &off})
	ctx := context.Background()

	d := newWebhookDispatcher(rt.Engine, zerolog.Nop())
	d.dispatchAll(ctx)
	appendEvent(t, rt, "wallet.transfer", nil)
	d.dispatchAll(ctx)
	assert.Empty(t, deliveries())
}

func TestEventFilter(t *testing.T) {
	assert.True(t, newEventFilter(nil).match("anything"))
	assert.True(t, newEventFilter([]string{" ", ""}).match("anything"))
	f := newEventFilter([]string{"mining.settled", " wallet.transfer "})
	assert.True(t, f.match("wallet.transfer"))
	assert.False(t, f.match("mining.cycle_started"))
}

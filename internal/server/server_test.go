package server

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"cointap/internal/app"
	"cointap/internal/domain"
	"cointap/internal/engine/auth"
	"cointap/internal/mining"
	"cointap/internal/notify"
	"cointap/internal/repo"
)

const testCode = "246810"

type testClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

type testServer struct {
	URL    string
	client *http.Client
	rt     *app.Runtime
	clock  *testClock
	mail   *notify.Recorder
}

func newTestServer(t *testing.T) *testServer {
	t.Helper()
	clk := &testClock{now: time.Date(2024, 3, 1, 8, 0, 0, 0, time.UTC)}
	mail := &notify.Recorder{}
	rt, err := app.Open(context.Background(), app.Options{
		Workspace: t.TempDir(),
		JWTSecret: "test-secret",
		Logger:    zerolog.Nop(),
		Now:       clk.Now,
		Mailer:    mail,
	})
	require.NoError(t, err)
	rt.Auth.Generate = func() (string, error) { return testCode, nil }

	handler, err := New(Config{Engine: rt.Engine, Auth: rt.Auth, BasePath: "/v1", Logger: zerolog.Nop()})
	require.NoError(t, err)
	ln, err := net.Listen("tcp4", "127.0.0.1:0")
	require.NoError(t, err)
	srv := &http.Server{Handler: handler}
	go srv.Serve(ln)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		srv.Shutdown(ctx)
		ln.Close()
		rt.Close()
	})
	return &testServer{
		URL:    "http://" + ln.Addr().String(),
		client: &http.Client{},
		rt:     rt,
		clock:  clk,
		mail:   mail,
	}
}

func (s *testServer) do(t *testing.T, method, route string, body any, headers map[string]string) (*http.Response, []byte) {
	t.Helper()
	reader := bytes.NewReader(nil)
	if body != nil {
		b, err := json.Marshal(body)
		require.NoError(t, err)
		reader = bytes.NewReader(b)
	}
	req, err := http.NewRequest(method, s.URL+route, reader)
	require.NoError(t, err)
	req.Header.Set("Content-Type", "application/json")
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	res, err := s.client.Do(req)
	require.NoError(t, err)
	defer res.Body.Close()
	data, err := io.ReadAll(res.Body)
	require.NoError(t, err)
	return res, data
}

func bearer(token string) map[string]string {
	return map[string]string{"Authorization": "Bearer " + token}
}

func decode[T any](t *testing.T, data []byte) T {
	t.Helper()
	var out T
	require.NoError(t, json.Unmarshal(data, &out), string(data))
	return out
}

func errorCode(t *testing.T, data []byte) string {
	t.Helper()
	var env struct {
		Error apiErrorBody `json:"error"`
	}
	require.NoError(t, json.Unmarshal(data, &env), string(data))
	return env.Error.Code
}

// signIn registers email through the OTP endpoints and returns the session.
func (s *testServer) signIn(t *testing.T, email string) SessionResponse {
	t.Helper()
	res, data := s.do(t, http.MethodPost, "/v1/auth/otp/request", map[string]any{"email": email, "mode": "register"}, nil)
	require.Equal(t, http.StatusOK, res.StatusCode, string(data))
	res, data = s.do(t, http.MethodPost, "/v1/auth/otp/verify", map[string]any{"email": email, "code": testCode}, nil)
	require.Equal(t, http.StatusOK, res.StatusCode, string(data))
	return decode[SessionResponse](t, data)
}

func (s *testServer) mine(t *testing.T, token string) CollectResponse {
	t.Helper()
	for i := 0; i < mining.RequiredEngagements; i++ {
		res, data := s.do(t, http.MethodPost, "/v1/me/mining/engagements", nil, bearer(token))
		require.Equal(t, http.StatusOK, res.StatusCode, string(data))
	}
	res, data := s.do(t, http.MethodPost, "/v1/me/mining/start", nil, bearer(token))
	require.Equal(t, http.StatusOK, res.StatusCode, string(data))
	s.clock.Advance(mining.CycleDuration)
	res, data = s.do(t, http.MethodPost, "/v1/me/mining/collect", nil, bearer(token))
	require.Equal(t, http.StatusOK, res.StatusCode, string(data))
	return decode[CollectResponse](t, data)
}

func TestHealthIsPublic(t *testing.T) {
	srv := newTestServer(t)
	res, data := srv.do(t, http.MethodGet, "/v1/health", nil, nil)
	require.Equal(t, http.StatusOK, res.StatusCode)
	assert.JSONEq(t, `{"status":"ok"}`, string(data))
}

func TestAuthRequired(t *testing.T) {
	srv := newTestServer(t)

	res, data := srv.do(t, http.MethodGet, "/v1/me", nil, nil)
	require.Equal(t, http.StatusUnauthorized, res.StatusCode)
	assert.Equal(t, "unauthorized", errorCode(t, data))

	res, data = srv.do(t, http.MethodGet, "/v1/me/mining", nil, bearer("not-a-token"))
	require.Equal(t, http.StatusUnauthorized, res.StatusCode)
	assert.Equal(t, "invalid_credentials", errorCode(t, data))

	res, data = srv.do(t, http.MethodGet, "/v1/me", nil, map[string]string{"X-Api-Key": "ctk_unknown"})
	require.Equal(t, http.StatusUnauthorized, res.StatusCode)
	assert.Equal(t, "invalid_credentials", errorCode(t, data))
}

func TestOTPFlow(t *testing.T) {
	srv := newTestServer(t)

	res, data := srv.do(t, http.MethodPost, "/v1/auth/otp/request", map[string]any{"email": "new@example.com", "mode": "login"}, nil)
	require.Equal(t, http.StatusNotFound, res.StatusCode)
	assert.Equal(t, "email_not_registered", errorCode(t, data))

	sess := srv.signIn(t, "New@Example.com")
	assert.True(t, sess.Created)
	assert.Equal(t, "new@example.com", sess.User.Email)
	assert.Equal(t, domain.TierBronze, sess.User.Rank)
	assert.Equal(t, 5.0, sess.User.MiningRate)

	msg, ok := srv.mail.Last("new@example.com")
	require.True(t, ok)
	assert.Contains(t, msg.Text, testCode)

	res, data = srv.do(t, http.MethodPost, "/v1/auth/otp/request", map[string]any{"email": "new@example.com", "mode": "register"}, nil)
	require.Equal(t, http.StatusConflict, res.StatusCode)
	assert.Equal(t, "email_registered", errorCode(t, data))

	res, data = srv.do(t, http.MethodPost, "/v1/auth/otp/request", map[string]any{"email": "new@example.com"}, nil)
	require.Equal(t, http.StatusOK, res.StatusCode, string(data))
	res, data = srv.do(t, http.MethodPost, "/v1/auth/otp/verify", map[string]any{"email": "new@example.com", "code": "000000"}, nil)
	require.Equal(t, http.StatusUnauthorized, res.StatusCode)
	assert.Equal(t, "invalid_otp", errorCode(t, data))

	res, data = srv.do(t, http.MethodPost, "/v1/auth/otp/verify", map[string]any{"email": "new@example.com", "code": testCode}, nil)
	require.Equal(t, http.StatusOK, res.StatusCode, string(data))
	login := decode[SessionResponse](t, data)
	assert.False(t, login.Created)
	assert.Equal(t, sess.User.ID, login.User.ID)

	res, data = srv.do(t, http.MethodGet, "/v1/me", nil, bearer(login.Token))
	require.Equal(t, http.StatusOK, res.StatusCode, string(data))
	assert.Equal(t, sess.User.ID, decode[domain.User](t, data).ID)
}

func TestMiningCycle(t *testing.T) {
	srv := newTestServer(t)
	token := srv.signIn(t, "miner@example.com").Token

	res, data := srv.do(t, http.MethodGet, "/v1/me/mining", nil, bearer(token))
	require.Equal(t, http.StatusOK, res.StatusCode, string(data))
	status := decode[MiningResponse](t, data)
	assert.Equal(t, "idle", status.Phase)
	assert.Equal(t, 0, status.Gate.Completed)
	assert.False(t, status.CanStart)

	res, data = srv.do(t, http.MethodPost, "/v1/me/mining/start", nil, bearer(token))
	require.Equal(t, http.StatusConflict, res.StatusCode)
	assert.Equal(t, "gate_not_satisfied", errorCode(t, data))

	for i := 0; i < 3; i++ {
		res, data = srv.do(t, http.MethodPost, "/v1/me/mining/engagements", nil, bearer(token))
		require.Equal(t, http.StatusOK, res.StatusCode, string(data))
	}
	status = decode[MiningResponse](t, data)
	assert.Equal(t, 2, status.Gate.Completed)
	assert.True(t, status.CanStart)

	res, data = srv.do(t, http.MethodPost, "/v1/me/mining/start", nil, bearer(token))
	require.Equal(t, http.StatusOK, res.StatusCode, string(data))
	status = decode[MiningResponse](t, data)
	assert.Equal(t, "running", status.Phase)
	require.NotNil(t, status.ReadyAt)
	assert.Equal(t, int64(12*3600), status.RemainingSeconds)

	res, data = srv.do(t, http.MethodPost, "/v1/me/mining/start", nil, bearer(token))
	require.Equal(t, http.StatusConflict, res.StatusCode)
	assert.Equal(t, "already_running", errorCode(t, data))

	res, data = srv.do(t, http.MethodPost, "/v1/me/mining/collect", nil, bearer(token))
	require.Equal(t, http.StatusConflict, res.StatusCode)
	assert.Equal(t, "not_complete", errorCode(t, data))

	srv.clock.Advance(6 * time.Hour)
	res, data = srv.do(t, http.MethodGet, "/v1/me/mining", nil, bearer(token))
	require.Equal(t, http.StatusOK, res.StatusCode)
	assert.InDelta(t, 50.0, decode[MiningResponse](t, data).ProgressPercent, 0.001)

	srv.clock.Advance(6 * time.Hour)
	res, data = srv.do(t, http.MethodPost, "/v1/me/mining/collect", nil, bearer(token))
	require.Equal(t, http.StatusOK, res.StatusCode, string(data))
	collected := decode[CollectResponse](t, data)
	assert.Equal(t, 5.0, collected.Amount)
	assert.Equal(t, 5.0, collected.Balance)
	assert.Equal(t, "idle", collected.Mining.Phase)
	assert.Equal(t, 0, collected.Mining.Gate.Completed)

	res, data = srv.do(t, http.MethodPost, "/v1/me/mining/collect", nil, bearer(token))
	require.Equal(t, http.StatusConflict, res.StatusCode)
	assert.Equal(t, "not_complete", errorCode(t, data))

	res, data = srv.do(t, http.MethodGet, "/v1/me/transactions", nil, bearer(token))
	require.Equal(t, http.StatusOK, res.StatusCode, string(data))
	txs := decode[paginatedTransactions](t, data)
	require.Len(t, txs.Items, 1)
	assert.Equal(t, domain.TxMining, txs.Items[0].Type)
	assert.Equal(t, 5.0, txs.Items[0].Amount)

	res, data = srv.do(t, http.MethodGet, "/v1/me", nil, bearer(token))
	require.Equal(t, http.StatusOK, res.StatusCode)
	me := decode[domain.User](t, data)
	assert.Equal(t, 5.0, me.Coins)
	assert.Nil(t, me.ReadyAt)
	assert.NotNil(t, me.LastMined)
}

func TestStopMining(t *testing.T) {
	srv := newTestServer(t)
	token := srv.signIn(t, "quitter@example.com").Token

	res, data := srv.do(t, http.MethodPost, "/v1/me/mining/stop", nil, bearer(token))
	require.Equal(t, http.StatusConflict, res.StatusCode)
	assert.Equal(t, "not_running", errorCode(t, data))

	for i := 0; i < 2; i++ {
		srv.do(t, http.MethodPost, "/v1/me/mining/engagements", nil, bearer(token))
	}
	res, _ = srv.do(t, http.MethodPost, "/v1/me/mining/start", nil, bearer(token))
	require.Equal(t, http.StatusOK, res.StatusCode)
	res, data = srv.do(t, http.MethodPost, "/v1/me/mining/stop", nil, bearer(token))
	require.Equal(t, http.StatusOK, res.StatusCode, string(data))
	assert.Equal(t, "idle", decode[MiningResponse](t, data).Phase)
}

func TestTransactionsPaging(t *testing.T) {
	srv := newTestServer(t)
	token := srv.signIn(t, "pager@example.com").Token
	for i := 0; i < 3; i++ {
		srv.mine(t, token)
		srv.clock.Advance(time.Minute)
	}

	res, data := srv.do(t, http.MethodGet, "/v1/me/transactions?limit=2", nil, bearer(token))
	require.Equal(t, http.StatusOK, res.StatusCode, string(data))
	page := decode[paginatedTransactions](t, data)
	require.Len(t, page.Items, 2)
	require.NotEmpty(t, page.NextCursor)

	res, data = srv.do(t, http.MethodGet, "/v1/me/transactions?limit=2&cursor="+page.NextCursor, nil, bearer(token))
	require.Equal(t, http.StatusOK, res.StatusCode, string(data))
	next := decode[paginatedTransactions](t, data)
	require.Len(t, next.Items, 1)
	assert.Empty(t, next.NextCursor)
	assert.NotEqual(t, page.Items[1].ID, next.Items[0].ID)

	res, data = srv.do(t, http.MethodGet, "/v1/me/transactions?cursor=broken", nil, bearer(token))
	require.Equal(t, http.StatusBadRequest, res.StatusCode)
	assert.Equal(t, "bad_request", errorCode(t, data))
}

func TestTransferAndRankings(t *testing.T) {
	srv := newTestServer(t)
	alice := srv.signIn(t, "alice@example.com")
	bob := srv.signIn(t, "bob@example.com")
	srv.mine(t, alice.Token)

	res, data := srv.do(t, http.MethodPost, "/v1/me/transfers", map[string]any{"to_email": "bob@example.com", "amount": 50}, bearer(alice.Token))
	require.Equal(t, http.StatusUnprocessableEntity, res.StatusCode)
	assert.Equal(t, "insufficient_funds", errorCode(t, data))

	res, data = srv.do(t, http.MethodPost, "/v1/me/transfers", map[string]any{"to_email": "nobody@example.com", "amount": 1}, bearer(alice.Token))
	require.Equal(t, http.StatusNotFound, res.StatusCode, string(data))

	res, data = srv.do(t, http.MethodPost, "/v1/me/transfers", map[string]any{"to_email": "bob@example.com", "amount": 2, "note": "lunch"}, bearer(alice.Token))
	require.Equal(t, http.StatusOK, res.StatusCode, string(data))
	sent := decode[TransferResponse](t, data)
	assert.Equal(t, 3.0, sent.Balance)
	assert.Equal(t, domain.TxTransferOut, sent.Transaction.Type)
	assert.Equal(t, -2.0, sent.Transaction.Amount)

	res, data = srv.do(t, http.MethodGet, "/v1/me/mining", nil, bearer(alice.Token))
	require.Equal(t, http.StatusOK, res.StatusCode)
	assert.Equal(t, 3.0, decode[MiningResponse](t, data).Balance)

	res, data = srv.do(t, http.MethodGet, "/v1/rankings", nil, bearer(bob.Token))
	require.Equal(t, http.StatusOK, res.StatusCode, string(data))
	ranks := decode[RankingsResponse](t, data)
	require.Len(t, ranks.Items, 2)
	assert.Equal(t, alice.User.ID, ranks.Items[0].UserID)
	require.NotNil(t, ranks.Me)
	assert.Equal(t, 2, ranks.Me.Position)
	assert.Equal(t, 2.0, ranks.Me.Coins)
}

func TestProfileUpdate(t *testing.T) {
	srv := newTestServer(t)
	token := srv.signIn(t, "named@example.com").Token

	res, data := srv.do(t, http.MethodPatch, "/v1/me", map[string]any{"display_name": "  Nova "}, bearer(token))
	require.Equal(t, http.StatusOK, res.StatusCode, string(data))
	assert.Equal(t, "Nova", decode[domain.User](t, data).DisplayName)

	res, _ = srv.do(t, http.MethodPatch, "/v1/me", map[string]any{"display_name": strings.Repeat("x", 80)}, bearer(token))
	assert.Equal(t, http.StatusBadRequest, res.StatusCode)
}

func TestAPIKeys(t *testing.T) {
	srv := newTestServer(t)
	sess := srv.signIn(t, "robot@example.com")

	res, data := srv.do(t, http.MethodPost, "/v1/me/api-keys", map[string]any{"name": "ci"}, bearer(sess.Token))
	require.Equal(t, http.StatusOK, res.StatusCode, string(data))
	key := decode[APIKeyResponse](t, data)
	require.True(t, strings.HasPrefix(key.Key, "ctk_"))

	res, data = srv.do(t, http.MethodGet, "/v1/me/mining", nil, map[string]string{"X-Api-Key": key.Key})
	require.Equal(t, http.StatusOK, res.StatusCode, string(data))

	res, data = srv.do(t, http.MethodGet, "/v1/me/api-keys", nil, bearer(sess.Token))
	require.Equal(t, http.StatusOK, res.StatusCode, string(data))
	keys := decode[[]APIKeyResponse](t, data)
	require.Len(t, keys, 1)
	assert.Empty(t, keys[0].Key)

	res, _ = srv.do(t, http.MethodDelete, "/v1/me/api-keys/"+key.ID, nil, bearer(sess.Token))
	require.Equal(t, http.StatusNoContent, res.StatusCode)
	res, _ = srv.do(t, http.MethodGet, "/v1/me", nil, map[string]string{"X-Api-Key": key.Key})
	assert.Equal(t, http.StatusUnauthorized, res.StatusCode)
}

func TestAdminMiningRate(t *testing.T) {
	srv := newTestServer(t)
	admin := srv.signIn(t, "admin@example.com")
	user := srv.signIn(t, "user@example.com")
	route := "/v1/admin/users/" + user.User.ID + "/mining-rate"

	res, data := srv.do(t, http.MethodPut, route, map[string]any{"mining_rate": 12.5}, bearer(admin.Token))
	require.Equal(t, http.StatusForbidden, res.StatusCode)
	assert.Equal(t, "forbidden", errorCode(t, data))

	_, err := srv.rt.Engine.SetRole(context.Background(), admin.User.ID, domain.RoleAdmin)
	require.NoError(t, err)

	res, data = srv.do(t, http.MethodPut, route, map[string]any{"mining_rate": 12.5}, bearer(admin.Token))
	require.Equal(t, http.StatusOK, res.StatusCode, string(data))
	assert.Equal(t, 12.5, decode[domain.User](t, data).MiningRate)

	res, data = srv.do(t, http.MethodPut, "/v1/admin/users/missing/mining-rate", map[string]any{"mining_rate": 1}, bearer(admin.Token))
	require.Equal(t, http.StatusNotFound, res.StatusCode, string(data))

	res, data = srv.do(t, http.MethodGet, "/v1/admin/users", nil, bearer(admin.Token))
	require.Equal(t, http.StatusOK, res.StatusCode, string(data))
	assert.Len(t, decode[paginatedUsers](t, data).Items, 2)

	assert.Equal(t, 12.5, srv.mine(t, user.Token).Amount)
}

func TestEventStream(t *testing.T) {
	srv := newTestServer(t)
	token := srv.signIn(t, "stream@example.com").Token

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, srv.URL+"/v1/me/events", nil)
	require.NoError(t, err)
	req.Header.Set("Authorization", "Bearer "+token)
	res, err := srv.client.Do(req)
	require.NoError(t, err)
	defer res.Body.Close()
	require.Equal(t, http.StatusOK, res.StatusCode)
	assert.Contains(t, res.Header.Get("Content-Type"), "text/event-stream")

	lines := bufio.NewScanner(res.Body)
	next := func() (string, string) {
		t.Helper()
		var name string
		for lines.Scan() {
			line := lines.Text()
			switch {
			case strings.HasPrefix(line, "event:"):
				name = strings.TrimSpace(strings.TrimPrefix(line, "event:"))
			case strings.HasPrefix(line, "data:"):
				return name, strings.TrimSpace(strings.TrimPrefix(line, "data:"))
			}
		}
		t.Fatalf("stream ended: %v", lines.Err())
		return "", ""
	}

	name, data := next()
	require.Equal(t, "snapshot", name)
	assert.Equal(t, "idle", decode[MiningResponse](t, []byte(data)).Phase)

	resp, body := srv.do(t, http.MethodPost, "/v1/me/mining/engagements", nil, bearer(token))
	require.Equal(t, http.StatusOK, resp.StatusCode, string(body))

	name, data = next()
	require.Equal(t, "mining", name)
	evt := decode[MiningEvent](t, []byte(data))
	assert.Equal(t, "mining.engagement_recorded", evt.Kind)
	assert.Equal(t, 1, evt.Gate.Completed)
}

func TestOpenAPIDocument(t *testing.T) {
	srv := newTestServer(t)
	res, data := srv.do(t, http.MethodGet, "/v1/openapi.json", nil, nil)
	require.Equal(t, http.StatusOK, res.StatusCode)
	var doc struct {
		Paths map[string]map[string]struct {
			Security []map[string][]string `json:"security"`
		} `json:"paths"`
	}
	require.NoError(t, json.Unmarshal(data, &doc))
	require.Contains(t, doc.Paths, "/v1/me/mining/start")
	assert.Empty(t, doc.Paths["/v1/auth/otp/request"]["post"].Security)
	assert.NotEmpty(t, doc.Paths["/v1/me/mining/start"]["post"].Security)

	res, _ = srv.do(t, http.MethodGet, "/docs", nil, nil)
	assert.Equal(t, http.StatusOK, res.StatusCode)
}

func TestHandleErrorMapping(t *testing.T) {
	cases := []struct {
		err    error
		status int
		code   string
	}{
		{mining.ErrGateNotSatisfied, http.StatusConflict, "gate_not_satisfied"},
		{fmt.Errorf("start: %w", mining.ErrAlreadyRunning), http.StatusConflict, "already_running"},
		{mining.ErrNotComplete, http.StatusConflict, "not_complete"},
		{&mining.PersistenceFailedError{Op: "settle", Err: errors.New("disk full")}, http.StatusServiceUnavailable, "persistence_failed"},
		{mining.ErrNoPrincipal, http.StatusUnauthorized, "unauthorized"},
		{repo.ErrInsufficientFunds, http.StatusUnprocessableEntity, "insufficient_funds"},
		{repo.ErrNotFound, http.StatusNotFound, "not_found"},
		{auth.ErrInvalidOTP, http.StatusUnauthorized, "invalid_otp"},
		{errors.New("amount must be positive"), http.StatusBadRequest, "bad_request"},
		{errors.New("boom"), http.StatusInternalServerError, "internal_error"},
	}
	for _, tc := range cases {
		t.Run(tc.code, func(t *testing.T) {
			se := handleError(tc.err)
			require.NotNil(t, se)
			assert.Equal(t, tc.status, se.GetStatus())
			ae, ok := se.(*apiError)
			require.True(t, ok)
			assert.Equal(t, tc.code, ae.Body.Code)
		})
	}
	assert.Nil(t, handleError(nil))
}

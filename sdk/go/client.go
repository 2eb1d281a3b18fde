package cointapsdk

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// Client is a minimal CoinTap HTTP API client.
type Client struct {
	BaseURL     string
	APIKey      string
	BearerToken string
	HTTPClient  *http.Client
	Timeout     time.Duration
}

// New creates a client with sane defaults.
func New(baseURL string) *Client {
	return &Client{
		BaseURL: baseURL,
		Timeout: 10 * time.Second,
	}
}

// User represents the account profile (partial).
type User struct {
	ID          string  `json:"id"`
	Email       string  `json:"email"`
	DisplayName string  `json:"display_name"`
	Coins       float64 `json:"coins"`
	MiningRate  float64 `json:"mining_rate"`
	Rank        string  `json:"rank"`
	Role        string  `json:"role"`
}

// Session is returned by VerifyOTP.
type Session struct {
	Token     string `json:"token"`
	ExpiresAt string `json:"expires_at"`
	Created   bool   `json:"created"`
	User      User   `json:"user"`
}

// Mining is the state of the user's reward cycle.
type Mining struct {
	Gate struct {
		Required  int  `json:"required"`
		Completed int  `json:"completed"`
		Satisfied bool `json:"satisfied"`
	} `json:"gate"`
	Phase            string  `json:"phase"`
	StartedAt        string  `json:"started_at,omitempty"`
	ReadyAt          string  `json:"ready_at,omitempty"`
	CanStart         bool    `json:"can_start"`
	ProgressPercent  float64 `json:"progress_percent"`
	RemainingSeconds int64   `json:"remaining_seconds"`
	Balance          float64 `json:"balance"`
	MiningRate       float64 `json:"mining_rate"`
}

// Collection is the outcome of a successful collect.
type Collection struct {
	Amount      float64 `json:"amount"`
	Balance     float64 `json:"balance"`
	SettledAt   string  `json:"settled_at"`
	NextReadyAt string  `json:"next_ready_at"`
	Mining      Mining  `json:"mining"`
}

// Transaction represents a wallet entry.
type Transaction struct {
	ID             string  `json:"id"`
	Type           string  `json:"type"`
	Amount         float64 `json:"amount"`
	Status         string  `json:"status"`
	CounterpartyID string  `json:"counterparty_id,omitempty"`
	Note           string  `json:"note,omitempty"`
	CreatedAt      string  `json:"created_at"`
}

// PaginatedTransactions wraps list responses with cursors.
type PaginatedTransactions struct {
	Items      []Transaction `json:"items"`
	NextCursor string        `json:"next_cursor"`
}

// RankingEntry is one leaderboard row.
type RankingEntry struct {
	Position    int     `json:"position"`
	UserID      string  `json:"user_id"`
	DisplayName string  `json:"display_name"`
	Coins       float64 `json:"coins"`
	Rank        string  `json:"rank"`
}

type Rankings struct {
	Items []RankingEntry `json:"items"`
	Me    *RankingEntry  `json:"me,omitempty"`
}

// APIError wraps non-2xx responses. Code is taken from the error envelope when present.
type APIError struct {
	StatusCode int
	Code       string
	Body       string
}

func (e *APIError) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("api error: status=%d code=%s", e.StatusCode, e.Code)
	}
	return fmt.Sprintf("api error: status=%d body=%s", e.StatusCode, e.Body)
}

// RequestOTP emails a sign in code. mode is "register" or "login".
func (c *Client) RequestOTP(ctx context.Context, email, mode string) error {
	body := map[string]any{"email": email}
	if mode != "" {
		body["mode"] = mode
	}
	return c.do(ctx, http.MethodPost, "auth/otp/request", body, nil)
}

// VerifyOTP exchanges the code for a session and stores the token on the client.
func (c *Client) VerifyOTP(ctx context.Context, email, code string) (Session, error) {
	var resp Session
	err := c.do(ctx, http.MethodPost, "auth/otp/verify", map[string]any{"email": email, "code": code}, &resp)
	if err == nil {
		c.BearerToken = resp.Token
	}
	return resp, err
}

func (c *Client) Me(ctx context.Context) (User, error) {
	var resp User
	err := c.do(ctx, http.MethodGet, "me", nil, &resp)
	return resp, err
}

func (c *Client) Mining(ctx context.Context) (Mining, error) {
	var resp Mining
	err := c.do(ctx, http.MethodGet, "me/mining", nil, &resp)
	return resp, err
}

// RecordEngagement reports one completed ad view.
func (c *Client) RecordEngagement(ctx context.Context) (Mining, error) {
	var resp Mining
	err := c.do(ctx, http.MethodPost, "me/mining/engagements", nil, &resp)
	return resp, err
}

func (c *Client) StartMining(ctx context.Context) (Mining, error) {
	var resp Mining
	err := c.do(ctx, http.MethodPost, "me/mining/start", nil, &resp)
	return resp, err
}

func (c *Client) StopMining(ctx context.Context) (Mining, error) {
	var resp Mining
	err := c.do(ctx, http.MethodPost, "me/mining/stop", nil, &resp)
	return resp, err
}

func (c *Client) Collect(ctx context.Context) (Collection, error) {
	var resp Collection
	err := c.do(ctx, http.MethodPost, "me/mining/collect", nil, &resp)
	return resp, err
}

// TransactionsPage returns a page of wallet activity, newest first.
func (c *Client) TransactionsPage(ctx context.Context, limit int, cursor string) (PaginatedTransactions, error) {
	q := url.Values{}
	if limit > 0 {
		q.Set("limit", fmt.Sprintf("%d", limit))
	}
	if cursor != "" {
		q.Set("cursor", cursor)
	}
	endpoint := "me/transactions"
	if len(q) > 0 {
		endpoint += "?" + q.Encode()
	}
	var resp PaginatedTransactions
	err := c.do(ctx, http.MethodGet, endpoint, nil, &resp)
	return resp, err
}

// Send transfers coins to another user by email and returns the new balance.
func (c *Client) Send(ctx context.Context, toEmail string, amount float64, note string) (float64, error) {
	var resp struct {
		Balance float64 `json:"balance"`
	}
	err := c.do(ctx, http.MethodPost, "me/transfers", map[string]any{
		"to_email": toEmail,
		"amount":   amount,
		"note":     note,
	}, &resp)
	return resp.Balance, err
}

func (c *Client) Rankings(ctx context.Context, limit, offset int) (Rankings, error) {
	var resp Rankings
	endpoint := fmt.Sprintf("rankings?limit=%d&offset=%d", limit, offset)
	err := c.do(ctx, http.MethodGet, endpoint, nil, &resp)
	return resp, err
}

func (c *Client) do(ctx context.Context, method, endpoint string, body any, out any) error {
	if c.HTTPClient == nil {
		c.HTTPClient = &http.Client{Timeout: c.Timeout}
	}
	url := c.base() + "/v1/" + strings.TrimLeft(endpoint, "/")
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			return err
		}
	}
	req, err := http.NewRequestWithContext(ctx, method, url, &buf)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	switch {
	case c.BearerToken != "":
		req.Header.Set("Authorization", "Bearer "+c.BearerToken)
	case c.APIKey != "":
		req.Header.Set("X-Api-Key", c.APIKey)
	}
	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		b, _ := io.ReadAll(resp.Body)
		apiErr := &APIError{StatusCode: resp.StatusCode, Body: string(b)}
		var env struct {
			Error struct {
				Code string `json:"code"`
			} `json:"error"`
		}
		if json.Unmarshal(b, &env) == nil {
			apiErr.Code = env.Error.Code
		}
		return apiErr
	}
	if out != nil {
		return json.NewDecoder(resp.Body).Decode(out)
	}
	return nil
}

func (c *Client) base() string {
	return strings.TrimRight(c.BaseURL, "/")
}

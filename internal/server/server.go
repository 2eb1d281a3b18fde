package server

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"path"
	"strings"
	"time"

	"github.com/danielgtaylor/huma/v2"
	humachi "github.com/danielgtaylor/huma/v2/adapters/humachi"
	"github.com/danielgtaylor/huma/v2/sse"
	"github.com/go-chi/chi/v5"
	"github.com/rs/cors"
	"github.com/rs/zerolog"

	"cointap/internal/domain"
	"cointap/internal/engine"
	"cointap/internal/engine/auth"
	"cointap/internal/mining"
	"cointap/internal/repo"
)

// Config for the HTTP API handler.
type Config struct {
	Engine      engine.Engine
	Auth        auth.Service
	BasePath    string
	CORSOrigins []string
	Logger      zerolog.Logger
}

type apiErrorBody struct {
	Code    string         `json:"code" example:"gate_not_satisfied"`
	Message string         `json:"message" example:"more engagements required before mining can start"`
	Details map[string]any `json:"details,omitempty" jsonschema:"type=object,additionalProperties=true" example:"{\"completed\":1}"`
}

type requestKey struct{}
type bodyBytesKey struct{}

// apiError models the required error envelope.
type apiError struct {
	status int
	Body   apiErrorBody `json:"error"`
}

func (e *apiError) GetStatus() int { return e.status }
func (e *apiError) Error() string  { return e.Body.Message }

// New returns an HTTP handler exposing the CoinTap API.
func New(cfg Config) (http.Handler, error) {
	basePath := cfg.BasePath
	if basePath == "" {
		basePath = "/v1"
	}
	if !strings.HasPrefix(basePath, "/") {
		basePath = "/" + basePath
	}
	huma.DefaultArrayNullable = false
	// Override Huma errors to use the requested envelope.
	huma.NewError = func(status int, msg string, errs ...error) huma.StatusError {
		return newAPIError(status, "", msg, nil)
	}
	huma.NewErrorWithContext = func(_ huma.Context, status int, msg string, errs ...error) huma.StatusError {
		if status == http.StatusUnprocessableEntity && strings.Contains(strings.ToLower(msg), "validation") {
			// Schema/request validation errors should be 400 bad_request
			status = http.StatusBadRequest
		}
		var details map[string]any
		if len(errs) > 0 {
			details = map[string]any{"errors": errs}
		}
		return newAPIError(status, "", msg, details)
	}

	origins := cfg.CORSOrigins
	if len(origins) == 0 {
		origins = []string{"*"}
	}

	router := chi.NewRouter()
	router.Use(cors.New(cors.Options{
		AllowedOrigins: origins,
		AllowedMethods: []string{http.MethodGet, http.MethodPost, http.MethodPut, http.MethodPatch, http.MethodDelete, http.MethodOptions},
		AllowedHeaders: []string{"Authorization", "Content-Type", "X-Api-Key"},
	}).Handler)
	router.Use(func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			bodyBytes, _ := io.ReadAll(r.Body)
			r.Body = io.NopCloser(bytes.NewBuffer(bodyBytes))
			ctx := context.WithValue(r.Context(), requestKey{}, r)
			ctx = context.WithValue(ctx, bodyBytesKey{}, bodyBytes)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	})
	router.Use(newAuthMiddleware(basePath, cfg.Auth.Tokens, cfg.Engine.Repo, cfg.Logger))
	hcfg := huma.DefaultConfig("CoinTap API", "1.0.0")
	hcfg.OpenAPIPath = "/openapi"
	hcfg.DocsPath = "" // custom Swagger UI below
	api := humachi.New(router, hcfg)
	group := huma.NewGroup(api, basePath)

	registerDocs(router, basePath)
	registerHealth(group)
	registerAuth(group, cfg.Auth)
	registerMe(group, cfg.Engine)
	registerMining(group, cfg.Engine)
	registerEvents(group, cfg.Engine, cfg.Logger)
	registerWallet(group, cfg.Engine)
	registerRankings(group, cfg.Engine)
	registerAPIKeys(group, cfg.Engine)
	registerAdmin(group, cfg.Engine)
	registerOpenAPI(router, api, basePath)

	return router, nil
}

func newAPIError(status int, code, message string, details map[string]any) huma.StatusError {
	if code == "" {
		code = defaultCodeForStatus(status)
	}
	return &apiError{
		status: status,
		Body: apiErrorBody{
			Code:    code,
			Message: message,
			Details: details,
		},
	}
}

func handleError(err error) huma.StatusError {
	if err == nil {
		return nil
	}
	var se huma.StatusError
	if errors.As(err, &se) {
		return se
	}
	var pe *mining.PersistenceFailedError
	switch {
	case errors.Is(err, mining.ErrNoPrincipal):
		return newAPIError(http.StatusUnauthorized, "unauthorized", err.Error(), nil)
	case errors.Is(err, mining.ErrGateNotSatisfied):
		return newAPIError(http.StatusConflict, "gate_not_satisfied", err.Error(), nil)
	case errors.Is(err, mining.ErrAlreadyRunning):
		return newAPIError(http.StatusConflict, "already_running", err.Error(), nil)
	case errors.Is(err, mining.ErrNotComplete):
		return newAPIError(http.StatusConflict, "not_complete", err.Error(), nil)
	case errors.Is(err, mining.ErrNotRunning):
		return newAPIError(http.StatusConflict, "not_running", err.Error(), nil)
	case errors.Is(err, repo.ErrStaleCycle):
		return newAPIError(http.StatusConflict, "stale_cycle", "mining state changed; reload and retry", nil)
	case errors.As(err, &pe):
		return newAPIError(http.StatusServiceUnavailable, "persistence_failed", "could not save mining state; retry", map[string]any{"op": pe.Op})
	case errors.Is(err, repo.ErrInsufficientFunds):
		return newAPIError(http.StatusUnprocessableEntity, "insufficient_funds", err.Error(), nil)
	case errors.Is(err, auth.ErrInvalidOTP):
		return newAPIError(http.StatusUnauthorized, "invalid_otp", err.Error(), nil)
	case errors.Is(err, auth.ErrEmailRegistered), errors.Is(err, repo.ErrConflict):
		return newAPIError(http.StatusConflict, "email_registered", err.Error(), nil)
	case errors.Is(err, auth.ErrEmailNotRegistered):
		return newAPIError(http.StatusNotFound, "email_not_registered", err.Error(), nil)
	case errors.Is(err, auth.ErrInvalidEmail):
		return newAPIError(http.StatusBadRequest, "bad_request", err.Error(), nil)
	case errors.Is(err, repo.ErrNotFound):
		return newAPIError(http.StatusNotFound, "not_found", err.Error(), nil)
	}
	msg := err.Error()
	lowered := strings.ToLower(msg)
	switch {
	case strings.Contains(lowered, "invalid"),
		strings.Contains(lowered, "required"),
		strings.Contains(lowered, "must be"),
		strings.Contains(lowered, "longer than"),
		strings.Contains(lowered, "yourself"):
		return newAPIError(http.StatusBadRequest, "bad_request", msg, nil)
	default:
		return newAPIError(http.StatusInternalServerError, "internal_error", "internal error", map[string]any{"error": msg})
	}
}

func defaultCodeForStatus(status int) string {
	switch status {
	case http.StatusBadRequest:
		return "bad_request"
	case http.StatusUnauthorized:
		return "unauthorized"
	case http.StatusNotFound:
		return "not_found"
	case http.StatusConflict:
		return "conflict"
	case http.StatusUnprocessableEntity:
		return "validation_failed"
	case http.StatusForbidden:
		return "forbidden"
	case http.StatusInternalServerError:
		return "internal_error"
	default:
		return strings.ToLower(strings.ReplaceAll(http.StatusText(status), " ", "_"))
	}
}

func requireAdmin(ctx context.Context, e engine.Engine) huma.StatusError {
	userID, authErr := userIDFromContext(ctx)
	if authErr != nil {
		return authErr
	}
	// The stored role wins over token claims so a revoked admin loses access at once.
	u, err := e.Repo.GetUser(ctx, userID)
	if err != nil {
		return handleError(err)
	}
	if u.Role != domain.RoleAdmin {
		return newAPIError(http.StatusForbidden, "forbidden", "admin role required", nil)
	}
	return nil
}

func registerDocs(r chi.Router, basePath string) {
	r.Get("/docs", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/html")
		io.WriteString(w, swaggerHTML(basePath))
	})
}

func registerOpenAPI(r chi.Router, api huma.API, basePath string) {
	var spec []byte
	specPath := path.Join(basePath, "openapi.json")
	r.Get(specPath, func(w http.ResponseWriter, r *http.Request) {
		if spec == nil {
			oas := api.OpenAPI()
			ensureDefaultErrorResponses(oas)
			applyAuthSecurity(oas, basePath)
			spec, _ = json.Marshal(oas)
		}
		w.Header().Set("Content-Type", "application/json")
		w.Write(spec)
	})
}

func ensureDefaultErrorResponses(oas *huma.OpenAPI) {
	if oas == nil || oas.Paths == nil {
		return
	}
	for _, item := range oas.Paths {
		for _, op := range []*huma.Operation{
			item.Get, item.Put, item.Post, item.Delete, item.Options, item.Head, item.Patch, item.Trace,
		} {
			if op == nil {
				continue
			}
			if op.Responses == nil {
				op.Responses = map[string]*huma.Response{}
			}
			op.Responses["default"] = &huma.Response{
				Description: "Error",
				Content: map[string]*huma.MediaType{
					"application/json": {
						Schema: &huma.Schema{Ref: "#/components/schemas/ApiError"},
					},
				},
			}
		}
	}
}

func applyAuthSecurity(oas *huma.OpenAPI, basePath string) {
	if oas == nil {
		return
	}
	if oas.Components == nil {
		oas.Components = &huma.Components{}
	}
	if oas.Components.SecuritySchemes == nil {
		oas.Components.SecuritySchemes = map[string]*huma.SecurityScheme{}
	}
	oas.Components.SecuritySchemes["bearerAuth"] = &huma.SecurityScheme{
		Type:         "http",
		Scheme:       "bearer",
		BearerFormat: "JWT",
	}
	oas.Components.SecuritySchemes["apiKeyAuth"] = &huma.SecurityScheme{
		Type: "apiKey",
		In:   "header",
		Name: "X-Api-Key",
	}
	security := []map[string][]string{
		{"bearerAuth": {}},
		{"apiKeyAuth": {}},
	}
	oas.Security = security
	public := publicPaths(basePath)
	for route, item := range oas.Paths {
		for _, op := range []*huma.Operation{
			item.Get, item.Put, item.Post, item.Delete, item.Options, item.Head, item.Patch, item.Trace,
		} {
			if op == nil {
				continue
			}
			if public[route] {
				op.Security = []map[string][]string{}
				continue
			}
			op.Security = security
		}
	}
}

func swaggerHTML(basePath string) string {
	specURL := path.Join("/", path.Join(basePath, "openapi.json"))
	return fmt.Sprintf(`<!doctype html>
<html lang="en">
  <head>
    <meta charset="utf-8"/>
    <meta name="viewport" content="width=device-width, initial-scale=1"/>
    <title>CoinTap API Docs</title>
    <link rel="stylesheet" href="https://unpkg.com/swagger-ui-dist@5/swagger-ui.css" />
  </head>
  <body>
    <div id="swagger-ui"></div>
    <script src="https://unpkg.com/swagger-ui-dist@5/swagger-ui-bundle.js" crossorigin></script>
    <script>
      window.onload = () => {
        SwaggerUIBundle({
          url: '%s',
          dom_id: '#swagger-ui'
        });
      };
    </script>
    <p style="padding: 1rem; font-family: sans-serif; color: #444;">
      Sign in with POST /auth/otp/request then /auth/otp/verify, then send Authorization: Bearer &lt;token&gt; or X-Api-Key.
    </p>
  </body>
</html>`, specURL)
}

func registerHealth(api huma.API) {
	huma.Register(api, huma.Operation{
		OperationID: "health",
		Method:      http.MethodGet,
		Path:        "/health",
		Summary:     "Health check",
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body map[string]string `json:"body"`
	}, error) {
		return &struct {
			Body map[string]string `json:"body"`
		}{Body: map[string]string{"status": "ok"}}, nil
	})
}

func registerAuth(api huma.API, svc auth.Service) {
	huma.Register(api, huma.Operation{
		OperationID: "request-otp",
		Method:      http.MethodPost,
		Path:        "/auth/otp/request",
		Summary:     "Email a one-time sign in code",
		Errors:      []int{http.StatusBadRequest, http.StatusNotFound, http.StatusConflict},
	}, func(ctx context.Context, input *struct {
		Body OTPRequest `json:"body"`
	}) (*struct {
		Body OTPRequestResponse `json:"body"`
	}, error) {
		mode, err := auth.ParseMode(input.Body.Mode)
		if err != nil {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", err.Error(), map[string]any{"mode": input.Body.Mode})
		}
		if err := svc.RequestOTP(ctx, input.Body.Email, mode); err != nil {
			return nil, handleError(err)
		}
		ttl := svc.TTL
		if ttl <= 0 {
			ttl = auth.DefaultOTPTTL
		}
		return &struct {
			Body OTPRequestResponse `json:"body"`
		}{Body: OTPRequestResponse{
			Sent:      true,
			Email:     repo.NormalizeEmail(input.Body.Email),
			Mode:      string(mode),
			ExpiresIn: int64(ttl / time.Second),
		}}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "verify-otp",
		Method:      http.MethodPost,
		Path:        "/auth/otp/verify",
		Summary:     "Exchange a one-time code for a session token",
		Errors:      []int{http.StatusBadRequest, http.StatusUnauthorized},
	}, func(ctx context.Context, input *struct {
		Body OTPVerifyRequest `json:"body"`
	}) (*struct {
		Body SessionResponse `json:"body"`
	}, error) {
		sess, err := svc.VerifyOTP(ctx, input.Body.Email, input.Body.Code)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body SessionResponse `json:"body"`
		}{Body: SessionResponse{
			Token:     sess.Token,
			ExpiresAt: repo.FormatTime(sess.ExpiresAt),
			Created:   sess.Created,
			User:      sess.User,
		}}, nil
	})
}

func registerMe(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "me",
		Method:      http.MethodGet,
		Path:        "/me",
		Summary:     "Current user profile",
		Errors:      []int{http.StatusUnauthorized},
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body domain.User `json:"body"`
	}, error) {
		userID, authErr := userIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		u, err := e.Profile(ctx, userID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.User `json:"body"`
		}{Body: u}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "update-me",
		Method:      http.MethodPatch,
		Path:        "/me",
		Summary:     "Update display name",
		Errors:      []int{http.StatusBadRequest, http.StatusUnauthorized},
	}, func(ctx context.Context, input *struct {
		Body UpdateProfileRequest `json:"body"`
	}) (*struct {
		Body domain.User `json:"body"`
	}, error) {
		userID, authErr := userIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		u, err := e.UpdateProfile(ctx, userID, input.Body.DisplayName)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.User `json:"body"`
		}{Body: u}, nil
	})
}

type miningOutput struct {
	Body MiningResponse `json:"body"`
}

func registerMining(api huma.API, e engine.Engine) {
	command := func(id, method, route, summary string, errs []int, run func(context.Context, string) (mining.Snapshot, error)) {
		huma.Register(api, huma.Operation{
			OperationID: id,
			Method:      method,
			Path:        route,
			Summary:     summary,
			Errors:      append([]int{http.StatusUnauthorized}, errs...),
		}, func(ctx context.Context, _ *struct{}) (*miningOutput, error) {
			userID, authErr := userIDFromContext(ctx)
			if authErr != nil {
				return nil, authErr
			}
			snap, err := run(ctx, userID)
			if err != nil {
				return nil, handleError(err)
			}
			return &miningOutput{Body: miningResponse(snap)}, nil
		})
	}
	command("mining-status", http.MethodGet, "/me/mining", "Current mining state", nil, e.MiningStatus)
	command("record-engagement", http.MethodPost, "/me/mining/engagements", "Record a completed ad view", nil, e.RecordEngagement)
	command("start-mining", http.MethodPost, "/me/mining/start", "Start a 12 hour mining cycle",
		[]int{http.StatusConflict, http.StatusServiceUnavailable}, e.StartMining)
	command("stop-mining", http.MethodPost, "/me/mining/stop", "Abandon the running cycle without credit",
		[]int{http.StatusConflict, http.StatusServiceUnavailable}, e.StopMining)

	huma.Register(api, huma.Operation{
		OperationID: "collect-mining",
		Method:      http.MethodPost,
		Path:        "/me/mining/collect",
		Summary:     "Collect the reward of a completed cycle",
		Errors:      []int{http.StatusUnauthorized, http.StatusConflict, http.StatusServiceUnavailable},
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body CollectResponse `json:"body"`
	}, error) {
		userID, authErr := userIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		res, err := e.Collect(ctx, userID)
		if err != nil {
			return nil, handleError(err)
		}
		snap, err := e.MiningStatus(ctx, userID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body CollectResponse `json:"body"`
		}{Body: CollectResponse{
			Amount:      res.Amount,
			Balance:     res.Balance,
			SettledAt:   repo.FormatTime(res.SettledAt),
			NextReadyAt: repo.FormatTime(res.NextReadyAt),
			Mining:      miningResponse(snap),
		}}, nil
	})
}

func registerEvents(api huma.API, e engine.Engine, log zerolog.Logger) {
	sse.Register(api, huma.Operation{
		OperationID: "mining-events",
		Method:      http.MethodGet,
		Path:        "/me/events",
		Summary:     "Stream mining state changes",
	}, map[string]any{
		"snapshot": MiningResponse{},
		"mining":   MiningEvent{},
	}, func(ctx context.Context, _ *struct{}, send sse.Sender) {
		userID, authErr := userIDFromContext(ctx)
		if authErr != nil {
			return
		}
		ch := make(chan mining.Event, 32)
		cancel, err := e.Subscribe(ctx, userID, func(evt mining.Event) {
			select {
			case ch <- evt:
			default:
				log.Warn().Str("user_id", userID).Str("event", string(evt.Kind)).Msg("event stream behind; dropping event")
			}
		})
		if err != nil {
			log.Error().Err(err).Str("user_id", userID).Msg("subscribe mining events")
			return
		}
		defer cancel()
		snap, err := e.MiningStatus(ctx, userID)
		if err != nil {
			return
		}
		if err := send.Data(miningResponse(snap)); err != nil {
			return
		}
		for {
			select {
			case <-ctx.Done():
				return
			case evt := <-ch:
				if err := send.Data(miningEvent(evt)); err != nil {
					return
				}
			}
		}
	})
}

func registerWallet(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "list-transactions",
		Method:      http.MethodGet,
		Path:        "/me/transactions",
		Summary:     "Wallet activity, newest first",
		Errors:      []int{http.StatusBadRequest, http.StatusUnauthorized},
	}, func(ctx context.Context, input *struct {
		Limit  int    `query:"limit" default:"10"`
		Cursor string `query:"cursor"`
	}) (*struct {
		Body paginatedTransactions `json:"body"`
	}, error) {
		userID, authErr := userIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		limit := normalizeLimit(input.Limit)
		cursorTS, cursorID, err := parseCompositeCursor(input.Cursor)
		if err != nil {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "invalid cursor", map[string]any{"cursor": input.Cursor})
		}
		items, err := e.Transactions(ctx, engine.TransactionFilters{
			UserID:          userID,
			Limit:           limit + 1,
			CursorCreatedAt: cursorTS,
			CursorID:        cursorID,
		})
		if err != nil {
			return nil, handleError(err)
		}
		resp := paginatedTransactions{Items: []domain.Transaction{}}
		if len(items) > limit {
			last := items[limit-1]
			resp.NextCursor = composeCursor(last.CreatedAt, last.ID)
			items = items[:limit]
		}
		resp.Items = append(resp.Items, items...)
		return &struct {
			Body paginatedTransactions `json:"body"`
		}{Body: resp}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "send-coins",
		Method:      http.MethodPost,
		Path:        "/me/transfers",
		Summary:     "Send coins to another user by email",
		Errors:      []int{http.StatusBadRequest, http.StatusUnauthorized, http.StatusNotFound, http.StatusUnprocessableEntity},
	}, func(ctx context.Context, input *struct {
		Body TransferRequest `json:"body"`
	}) (*struct {
		Body TransferResponse `json:"body"`
	}, error) {
		userID, authErr := userIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		res, err := e.Transfer(ctx, engine.TransferOptions{
			FromUserID: userID,
			ToEmail:    input.Body.ToEmail,
			Amount:     input.Body.Amount,
			Note:       input.Body.Note,
		})
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body TransferResponse `json:"body"`
		}{Body: TransferResponse{Transaction: res.Out, Balance: res.SenderBalance}}, nil
	})
}

func registerRankings(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "rankings",
		Method:      http.MethodGet,
		Path:        "/rankings",
		Summary:     "Global ranking by coins",
		Errors:      []int{http.StatusUnauthorized},
	}, func(ctx context.Context, input *struct {
		Limit  int `query:"limit" default:"50"`
		Offset int `query:"offset" default:"0" minimum:"0"`
	}) (*struct {
		Body RankingsResponse `json:"body"`
	}, error) {
		userID, authErr := userIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		r, err := e.Rankings(ctx, userID, normalizeLimit(input.Limit), input.Offset)
		if err != nil {
			return nil, handleError(err)
		}
		resp := RankingsResponse{Items: []domain.RankingEntry{}, Me: r.Me}
		resp.Items = append(resp.Items, r.Entries...)
		return &struct {
			Body RankingsResponse `json:"body"`
		}{Body: resp}, nil
	})
}

func registerAPIKeys(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "create-api-key",
		Method:      http.MethodPost,
		Path:        "/me/api-keys",
		Summary:     "Create an API key; the key is only shown once",
		Errors:      []int{http.StatusUnauthorized},
	}, func(ctx context.Context, input *struct {
		Body CreateAPIKeyRequest `json:"body"`
	}) (*struct {
		Body APIKeyResponse `json:"body"`
	}, error) {
		userID, authErr := userIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		key, plain, err := e.CreateAPIKey(ctx, userID, input.Body.Name)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body APIKeyResponse `json:"body"`
		}{Body: apiKeyResponse(key, plain)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-api-keys",
		Method:      http.MethodGet,
		Path:        "/me/api-keys",
		Summary:     "List API keys",
		Errors:      []int{http.StatusUnauthorized},
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body []APIKeyResponse `json:"body"`
	}, error) {
		userID, authErr := userIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		keys, err := e.Repo.ListAPIKeys(ctx, userID)
		if err != nil {
			return nil, handleError(err)
		}
		out := make([]APIKeyResponse, 0, len(keys))
		for _, k := range keys {
			out = append(out, apiKeyResponse(k, ""))
		}
		return &struct {
			Body []APIKeyResponse `json:"body"`
		}{Body: out}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID:   "delete-api-key",
		Method:        http.MethodDelete,
		Path:          "/me/api-keys/{key_id}",
		Summary:       "Revoke an API key",
		DefaultStatus: http.StatusNoContent,
		Errors:        []int{http.StatusUnauthorized, http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		KeyID string `path:"key_id"`
	}) (*struct{}, error) {
		userID, authErr := userIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		if err := e.Repo.DeleteAPIKey(ctx, userID, input.KeyID); err != nil {
			return nil, handleError(err)
		}
		return nil, nil
	})
}

func registerAdmin(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "admin-list-users",
		Method:      http.MethodGet,
		Path:        "/admin/users",
		Summary:     "List accounts",
		Errors:      []int{http.StatusBadRequest, http.StatusUnauthorized, http.StatusForbidden},
	}, func(ctx context.Context, input *struct {
		Limit  int    `query:"limit" default:"50"`
		Cursor string `query:"cursor"`
	}) (*struct {
		Body paginatedUsers `json:"body"`
	}, error) {
		if err := requireAdmin(ctx, e); err != nil {
			return nil, err
		}
		limit := normalizeLimit(input.Limit)
		cursorTS, cursorID, err := parseCompositeCursor(input.Cursor)
		if err != nil {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "invalid cursor", map[string]any{"cursor": input.Cursor})
		}
		items, err := e.Repo.ListUsersWithCursor(ctx, limit+1, cursorTS, cursorID)
		if err != nil {
			return nil, handleError(err)
		}
		resp := paginatedUsers{Items: []domain.User{}}
		if len(items) > limit {
			last := items[limit-1]
			resp.NextCursor = composeCursor(last.CreatedAt, last.ID)
			items = items[:limit]
		}
		resp.Items = append(resp.Items, items...)
		return &struct {
			Body paginatedUsers `json:"body"`
		}{Body: resp}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "admin-set-mining-rate",
		Method:      http.MethodPut,
		Path:        "/admin/users/{user_id}/mining-rate",
		Summary:     "Override a user's per-cycle reward",
		Errors:      []int{http.StatusBadRequest, http.StatusUnauthorized, http.StatusForbidden, http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		UserID string            `path:"user_id"`
		Body   MiningRateRequest `json:"body"`
	}) (*struct {
		Body domain.User `json:"body"`
	}, error) {
		if err := requireAdmin(ctx, e); err != nil {
			return nil, err
		}
		u, err := e.SetMiningRate(ctx, input.UserID, input.Body.MiningRate)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.User `json:"body"`
		}{Body: u}, nil
	})
}

type paginatedUsers struct {
	Items      []domain.User `json:"items"`
	NextCursor string        `json:"next_cursor,omitempty"`
}

func normalizeLimit(in int) int {
	if in <= 0 {
		return 50
	}
	if in > 200 {
		return 200
	}
	return in
}

func parseCompositeCursor(cursor string) (string, string, error) {
	if cursor == "" {
		return "", "", nil
	}
	parts := strings.SplitN(cursor, "|", 2)
	if len(parts) != 2 || parts[0] == "" || parts[1] == "" {
		return "", "", fmt.Errorf("invalid cursor")
	}
	return parts[0], parts[1], nil
}

func composeCursor(ts, id string) string {
	if ts == "" || id == "" {
		return ""
	}
	return ts + "|" + id
}

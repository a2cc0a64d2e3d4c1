// Package server exposes the request queue, items, transactions and lineage
// over HTTP.
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

	"github.com/danielgtaylor/huma/v2"
	humachi "github.com/danielgtaylor/huma/v2/adapters/humachi"
	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"stockline/internal/domain"
	"stockline/internal/engine"
	"stockline/internal/envelope"
	"stockline/internal/repo"
)

// Config for the HTTP API handler.
type Config struct {
	Executor *engine.Executor
	Requests envelope.Service
	BasePath string
	Auth     AuthConfig
	Logger   *zap.Logger
}

type apiErrorBody struct {
	Code    string         `json:"code" example:"failed-precondition"`
	Message string         `json:"message" example:"item I is in scope P2, request expected P1"`
	Details map[string]any `json:"details,omitempty" jsonschema:"type=object,additionalProperties=true"`
}

type bodyBytesKey struct{}

// apiError models the JSON error envelope.
type apiError struct {
	status int
	Body   apiErrorBody `json:"error"`
}

func (e *apiError) GetStatus() int { return e.status }
func (e *apiError) Error() string  { return e.Body.Message }

// New returns an HTTP handler exposing the Stockline API.
func New(cfg Config) (http.Handler, error) {
	if cfg.Executor == nil {
		return nil, errors.New("executor required")
	}
	if cfg.Requests.Repo.DB == nil {
		cfg.Requests.Repo = cfg.Executor.Repo
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.Auth.Logger == nil {
		cfg.Auth.Logger = logger
	}
	basePath := cfg.BasePath
	if basePath == "" {
		basePath = "/v0"
	}
	if !strings.HasPrefix(basePath, "/") {
		basePath = "/" + basePath
	}
	huma.DefaultArrayNullable = false
	huma.NewError = func(status int, msg string, errs ...error) huma.StatusError {
		return newAPIError(status, "", msg, nil)
	}
	huma.NewErrorWithContext = func(_ huma.Context, status int, msg string, errs ...error) huma.StatusError {
		if status == http.StatusUnprocessableEntity {
			status = http.StatusBadRequest
		}
		var details map[string]any
		if len(errs) > 0 {
			details = map[string]any{"errors": errs}
		}
		return newAPIError(status, "", msg, details)
	}

	router := chi.NewRouter()
	router.Use(func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			bodyBytes, _ := io.ReadAll(r.Body)
			r.Body = io.NopCloser(bytes.NewBuffer(bodyBytes))
			ctx := context.WithValue(r.Context(), bodyBytesKey{}, bodyBytes)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	})
	router.Use(newAuthMiddleware(basePath, cfg.Auth, cfg.Executor.Repo))
	hcfg := huma.DefaultConfig("Stockline API", "0.1.0")
	hcfg.OpenAPIPath = "/openapi"
	hcfg.DocsPath = ""
	api := humachi.New(router, hcfg)
	group := huma.NewGroup(api, basePath)

	h := handlers{exec: cfg.Executor, requests: cfg.Requests, logger: logger}
	registerDocs(router, basePath)
	registerHealth(group)
	h.registerRequests(group)
	h.registerItems(group)
	h.registerTransactions(group)
	h.registerReconcile(group)
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

var statusForCode = map[string]int{
	engine.CodeUnauthenticated:    http.StatusUnauthorized,
	engine.CodeInvalidArgument:    http.StatusBadRequest,
	engine.CodeNotFound:           http.StatusNotFound,
	engine.CodeFailedPrecondition: http.StatusConflict,
	engine.CodeResourceExhausted:  http.StatusTooManyRequests,
	engine.CodeUnimplemented:      http.StatusNotImplemented,
}

func handleError(err error) huma.StatusError {
	if err == nil {
		return nil
	}
	var se huma.StatusError
	if errors.As(err, &se) {
		return se
	}
	code := engine.CodeOf(err)
	if status, ok := statusForCode[code]; ok {
		return newAPIError(status, code, engine.MessageOf(err), nil)
	}
	msg := err.Error()
	lowered := strings.ToLower(msg)
	switch {
	case strings.Contains(lowered, "invalid") || strings.Contains(lowered, "missing") ||
		strings.Contains(lowered, "required") || strings.Contains(lowered, "cannot"):
		return newAPIError(http.StatusBadRequest, engine.CodeInvalidArgument, msg, nil)
	default:
		return newAPIError(http.StatusInternalServerError, "internal_error", "internal error", map[string]any{"error": msg})
	}
}

func defaultCodeForStatus(status int) string {
	switch status {
	case http.StatusBadRequest:
		return engine.CodeInvalidArgument
	case http.StatusUnauthorized:
		return engine.CodeUnauthenticated
	case http.StatusNotFound:
		return engine.CodeNotFound
	case http.StatusConflict:
		return "conflict"
	case http.StatusForbidden:
		return "forbidden"
	case http.StatusInternalServerError:
		return "internal_error"
	default:
		return strings.ToLower(strings.ReplaceAll(http.StatusText(status), " ", "_"))
	}
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
			item.Get, item.Put, item.Post, item.Delete, item.Patch,
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
	healthPath := path.Join("/", basePath, "health")
	for route, item := range oas.Paths {
		for _, op := range []*huma.Operation{
			item.Get, item.Put, item.Post, item.Delete, item.Patch,
		} {
			if op == nil {
				continue
			}
			if route == healthPath {
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
    <title>Stockline API Docs</title>
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
      Authenticate with Authorization: Bearer &lt;token&gt; or X-Api-Key.
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

type handlers struct {
	exec     *engine.Executor
	requests envelope.Service
	logger   *zap.Logger
}

var commonErrors = []int{
	http.StatusBadRequest,
	http.StatusUnauthorized,
	http.StatusForbidden,
	http.StatusNotFound,
	http.StatusInternalServerError,
}

func (h handlers) registerRequests(api huma.API) {
	huma.Register(api, huma.Operation{
		OperationID:   "create-request",
		Method:        http.MethodPost,
		Path:          "/accounts/{account}/requests",
		Summary:       "Submit a request envelope",
		Description:   "Stores the request as pending and hands it to the executor. With wait=true the request is applied before the response is written.",
		DefaultStatus: http.StatusAccepted,
		Errors:        commonErrors,
	}, func(ctx context.Context, input *struct {
		Account string            `path:"account"`
		Wait    bool              `query:"wait"`
		Body    CreateRequestBody `json:"body"`
	}) (*struct {
		Body domain.Request `json:"body"`
	}, error) {
		actorID, authErr := requireAccount(ctx, input.Account)
		if authErr != nil {
			return nil, authErr
		}
		if len(bodyBytes(ctx)) == 0 {
			return nil, newAPIError(http.StatusBadRequest, engine.CodeInvalidArgument, "body required", nil)
		}
		if strings.TrimSpace(input.Body.Type) == "" {
			return nil, newAPIError(http.StatusBadRequest, engine.CodeInvalidArgument, "type is required", nil)
		}
		var payload json.RawMessage
		if input.Body.Payload != nil {
			b, err := json.Marshal(input.Body.Payload)
			if err != nil {
				return nil, newAPIError(http.StatusBadRequest, engine.CodeInvalidArgument, "invalid payload", nil)
			}
			payload = b
		}
		opID := ""
		if input.Body.OpID != nil {
			opID = *input.Body.OpID
		}
		req, err := h.requests.Enqueue(ctx, envelope.EnqueueInput{
			AccountID: input.Account,
			Type:      input.Body.Type,
			Payload:   payload,
			OpID:      opID,
			CreatedBy: actorID,
		})
		if err != nil {
			return nil, handleError(err)
		}
		if input.Wait {
			processed, err := h.exec.Process(ctx, req.ID)
			if err != nil {
				h.logger.Warn("request left pending", zap.String("request_id", req.ID), zap.Error(err))
			} else {
				req = processed
			}
		}
		return &struct {
			Body domain.Request `json:"body"`
		}{Body: req}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-requests",
		Method:      http.MethodGet,
		Path:        "/accounts/{account}/requests",
		Summary:     "List request envelopes",
		Errors:      commonErrors,
	}, func(ctx context.Context, input *struct {
		Account string `path:"account"`
		Status  string `query:"status"`
		Type    string `query:"type"`
		Limit   int    `query:"limit"`
	}) (*struct {
		Body RequestList `json:"body"`
	}, error) {
		if _, authErr := requireAccount(ctx, input.Account); authErr != nil {
			return nil, authErr
		}
		items, err := h.exec.Repo.ListRequests(ctx, repo.RequestFilter{
			AccountID: input.Account,
			Status:    input.Status,
			Type:      input.Type,
			Limit:     normalizeLimit(input.Limit),
		})
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body RequestList `json:"body"`
		}{Body: RequestList{Items: nonNilRequests(items)}}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-request",
		Method:      http.MethodGet,
		Path:        "/accounts/{account}/requests/{id}",
		Summary:     "Get a request envelope",
		Errors:      commonErrors,
	}, func(ctx context.Context, input *struct {
		Account string `path:"account"`
		ID      string `path:"id"`
	}) (*struct {
		Body domain.Request `json:"body"`
	}, error) {
		if _, authErr := requireAccount(ctx, input.Account); authErr != nil {
			return nil, authErr
		}
		req, err := h.exec.Repo.GetRequest(ctx, nil, input.ID)
		if err == nil && req.AccountID != input.Account {
			err = repo.ErrNotFound
		}
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.Request `json:"body"`
		}{Body: req}, nil
	})
}

func (h handlers) registerItems(api huma.API) {
	huma.Register(api, huma.Operation{
		OperationID:   "create-item",
		Method:        http.MethodPost,
		Path:          "/accounts/{account}/items",
		Summary:       "Create item",
		DefaultStatus: http.StatusCreated,
		Errors:        commonErrors,
	}, func(ctx context.Context, input *struct {
		Account string            `path:"account"`
		Body    CreateItemRequest `json:"body"`
	}) (*struct {
		Body domain.Item `json:"body"`
	}, error) {
		if _, authErr := requireAccount(ctx, input.Account); authErr != nil {
			return nil, authErr
		}
		if strings.TrimSpace(input.Body.Name) == "" {
			return nil, newAPIError(http.StatusBadRequest, engine.CodeInvalidArgument, "name is required", nil)
		}
		in := engine.ItemInput{
			AccountID:          input.Account,
			Name:               input.Body.Name,
			Category:           input.Body.Category,
			PriceCents:         input.Body.PriceCents,
			PurchasePriceCents: input.Body.PurchasePriceCents,
			ScopeID:            input.Body.ScopeID,
			Images:             input.Body.Images,
		}
		if input.Body.ID != nil {
			in.ID = *input.Body.ID
		}
		it, err := h.exec.CreateItem(ctx, in)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.Item `json:"body"`
		}{Body: it}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-item",
		Method:      http.MethodGet,
		Path:        "/accounts/{account}/items/{id}",
		Summary:     "Get item",
		Errors:      commonErrors,
	}, func(ctx context.Context, input *struct {
		Account string `path:"account"`
		ID      string `path:"id"`
	}) (*struct {
		Body domain.Item `json:"body"`
	}, error) {
		if _, authErr := requireAccount(ctx, input.Account); authErr != nil {
			return nil, authErr
		}
		it, err := h.exec.GetItem(ctx, input.Account, input.ID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.Item `json:"body"`
		}{Body: it}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "set-item-prices",
		Method:      http.MethodPut,
		Path:        "/accounts/{account}/items/{id}/prices",
		Summary:     "Set item prices",
		Description: "Every transaction the item belongs to is recomputed in the same write.",
		Errors:      commonErrors,
	}, func(ctx context.Context, input *struct {
		Account string               `path:"account"`
		ID      string               `path:"id"`
		Body    SetItemPricesRequest `json:"body"`
	}) (*struct {
		Body domain.Item `json:"body"`
	}, error) {
		if _, authErr := requireAccount(ctx, input.Account); authErr != nil {
			return nil, authErr
		}
		it, err := h.exec.SetItemPrices(ctx, input.Account, input.ID, input.Body.PriceCents, input.Body.PurchasePriceCents)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.Item `json:"body"`
		}{Body: it}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "set-item-transaction",
		Method:      http.MethodPut,
		Path:        "/accounts/{account}/items/{id}/transaction",
		Summary:     "Point an item at a transaction",
		Description: "Direct edit outside the request queue. Appends an association edge, and a returned edge when the target is a return.",
		Errors:      commonErrors,
	}, func(ctx context.Context, input *struct {
		Account string                    `path:"account"`
		ID      string                    `path:"id"`
		Body    SetItemTransactionRequest `json:"body"`
	}) (*struct {
		Body ItemTransactionResponse `json:"body"`
	}, error) {
		actorID, authErr := requireAccount(ctx, input.Account)
		if authErr != nil {
			return nil, authErr
		}
		it, edges, err := h.exec.LinkItem(ctx, engine.LinkInput{
			AccountID:     input.Account,
			ItemID:        input.ID,
			TransactionID: input.Body.TransactionID,
			ActorID:       actorID,
			Source:        domain.SourceClient,
			Note:          input.Body.Note,
		})
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body ItemTransactionResponse `json:"body"`
		}{Body: ItemTransactionResponse{Item: it, Edges: nonNilEdges(edges)}}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "item-lineage",
		Method:      http.MethodGet,
		Path:        "/accounts/{account}/items/{id}/lineage",
		Summary:     "Item lineage",
		Errors:      commonErrors,
	}, func(ctx context.Context, input *struct {
		Account string `path:"account"`
		ID      string `path:"id"`
	}) (*struct {
		Body LineageResponse `json:"body"`
	}, error) {
		if _, authErr := requireAccount(ctx, input.Account); authErr != nil {
			return nil, authErr
		}
		if _, err := h.exec.GetItem(ctx, input.Account, input.ID); err != nil {
			return nil, handleError(err)
		}
		edges, err := h.exec.Repo.ListEdges(ctx, input.Account, input.ID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body LineageResponse `json:"body"`
		}{Body: LineageResponse{Items: nonNilEdges(edges)}}, nil
	})
}

func (h handlers) registerTransactions(api huma.API) {
	huma.Register(api, huma.Operation{
		OperationID:   "create-transaction",
		Method:        http.MethodPost,
		Path:          "/accounts/{account}/transactions",
		Summary:       "Enter a manual transaction",
		DefaultStatus: http.StatusCreated,
		Errors:        commonErrors,
	}, func(ctx context.Context, input *struct {
		Account string                   `path:"account"`
		Body    CreateTransactionRequest `json:"body"`
	}) (*struct {
		Body domain.Aggregate `json:"body"`
	}, error) {
		if _, authErr := requireAccount(ctx, input.Account); authErr != nil {
			return nil, authErr
		}
		agg, err := h.exec.CreateTransaction(ctx, engine.TransactionInput{
			AccountID:   input.Account,
			ScopeID:     input.Body.ScopeID,
			Direction:   input.Body.Direction,
			Category:    input.Body.Category,
			AmountCents: input.Body.AmountCents,
			IsReturn:    input.Body.IsReturn,
			Note:        input.Body.Note,
			Receipts:    input.Body.Receipts,
		})
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.Aggregate `json:"body"`
		}{Body: agg}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-transactions",
		Method:      http.MethodGet,
		Path:        "/accounts/{account}/transactions",
		Summary:     "List transactions",
		Errors:      commonErrors,
	}, func(ctx context.Context, input *struct {
		Account   string `path:"account"`
		ScopeID   string `query:"scope_id"`
		Canonical bool   `query:"canonical"`
	}) (*struct {
		Body TransactionList `json:"body"`
	}, error) {
		if _, authErr := requireAccount(ctx, input.Account); authErr != nil {
			return nil, authErr
		}
		items, err := h.exec.Repo.ListAggregates(ctx, repo.AggregateFilter{
			AccountID:     input.Account,
			ScopeID:       input.ScopeID,
			CanonicalOnly: input.Canonical,
		})
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body TransactionList `json:"body"`
		}{Body: TransactionList{Items: nonNilAggregates(items)}}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-transaction",
		Method:      http.MethodGet,
		Path:        "/accounts/{account}/transactions/{id}",
		Summary:     "Get transaction",
		Errors:      commonErrors,
	}, func(ctx context.Context, input *struct {
		Account string `path:"account"`
		ID      string `path:"id"`
	}) (*struct {
		Body domain.Aggregate `json:"body"`
	}, error) {
		if _, authErr := requireAccount(ctx, input.Account); authErr != nil {
			return nil, authErr
		}
		agg, err := h.exec.Repo.GetAggregate(ctx, nil, input.Account, input.ID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.Aggregate `json:"body"`
		}{Body: agg}, nil
	})
}

func (h handlers) registerReconcile(api huma.API) {
	huma.Register(api, huma.Operation{
		OperationID: "reconcile",
		Method:      http.MethodPost,
		Path:        "/accounts/{account}/reconcile",
		Summary:     "Recompute canonical transaction totals",
		Errors:      commonErrors,
	}, func(ctx context.Context, input *struct {
		Account string `path:"account"`
	}) (*struct {
		Body ReconcileResponse `json:"body"`
	}, error) {
		if _, authErr := requireAccount(ctx, input.Account); authErr != nil {
			return nil, authErr
		}
		report, err := h.exec.Ledger.Reconcile(ctx, input.Account)
		if err != nil {
			return nil, handleError(err)
		}
		if report.Repaired > 0 || len(report.Failures) > 0 {
			h.logger.Info("reconcile finished",
				zap.String("account_id", input.Account),
				zap.Int("checked", report.Checked),
				zap.Int("repaired", report.Repaired),
				zap.Int("failures", len(report.Failures)))
		}
		return &struct {
			Body ReconcileResponse `json:"body"`
		}{Body: report}, nil
	})
}

func bodyBytes(ctx context.Context) []byte {
	if buf, ok := ctx.Value(bodyBytesKey{}).([]byte); ok {
		return buf
	}
	return nil
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

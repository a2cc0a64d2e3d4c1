package stocklinesdk

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

// Client is a minimal Stockline HTTP API client.
type Client struct {
	BaseURL     string
	AccountID   string
	APIKey      string
	BearerToken string
	HTTPClient  *http.Client
	Timeout     time.Duration
}

// New creates a client with sane defaults.
func New(baseURL, accountID string) *Client {
	return &Client{
		BaseURL:   baseURL,
		AccountID: accountID,
		Timeout:   10 * time.Second,
	}
}

// ForAccount returns a copy of the client bound to another account.
func (c *Client) ForAccount(accountID string) *Client {
	cp := *c
	cp.AccountID = accountID
	return &cp
}

// Request is a queued request envelope.
type Request struct {
	ID           string          `json:"id"`
	AccountID    string          `json:"account_id"`
	Type         string          `json:"type"`
	Status       string          `json:"status"`
	OpID         *string         `json:"op_id,omitempty"`
	Payload      json.RawMessage `json:"payload"`
	CreatedBy    string          `json:"created_by,omitempty"`
	CreatedAt    string          `json:"created_at"`
	AppliedAt    *string         `json:"applied_at,omitempty"`
	Deduped      bool            `json:"deduped,omitempty"`
	DedupedFrom  *string         `json:"deduped_from,omitempty"`
	ErrorCode    *string         `json:"error_code,omitempty"`
	ErrorMessage *string         `json:"error_message,omitempty"`
}

// AttachmentRef points at binary content, local or remote.
type AttachmentRef struct {
	URL       string `json:"url"`
	Kind      string `json:"kind"`
	MimeType  string `json:"mime_type,omitempty"`
	IsPrimary bool   `json:"is_primary,omitempty"`
}

type Item struct {
	ID                  string          `json:"id"`
	AccountID           string          `json:"account_id"`
	Name                string          `json:"name"`
	Category            string          `json:"category,omitempty"`
	PriceCents          *int64          `json:"price_cents,omitempty"`
	PurchasePriceCents  *int64          `json:"purchase_price_cents,omitempty"`
	ScopeID             *string         `json:"scope_id,omitempty"`
	ActiveTransactionID *string         `json:"active_transaction_id,omitempty"`
	LatestTransactionID *string         `json:"latest_transaction_id,omitempty"`
	Images              []AttachmentRef `json:"images,omitempty"`
	CreatedAt           string          `json:"created_at"`
	UpdatedAt           string          `json:"updated_at"`
}

// Transaction is an accounting aggregate.
type Transaction struct {
	ID          string          `json:"id"`
	AccountID   string          `json:"account_id"`
	ScopeID     *string         `json:"scope_id,omitempty"`
	Direction   string          `json:"direction"`
	Category    string          `json:"category"`
	AmountCents int64           `json:"amount_cents"`
	ItemIDs     []string        `json:"item_ids"`
	IsCanonical bool            `json:"is_canonical"`
	IsReturn    bool            `json:"is_return,omitempty"`
	Note        string          `json:"note,omitempty"`
	Receipts    []AttachmentRef `json:"receipts,omitempty"`
	CreatedAt   string          `json:"created_at"`
	UpdatedAt   string          `json:"updated_at"`
}

// Edge is one lineage entry for an item.
type Edge struct {
	ID           string  `json:"id"`
	ItemID       string  `json:"item_id"`
	FromRef      *string `json:"from_ref"`
	ToRef        *string `json:"to_ref"`
	MovementKind string  `json:"movement_kind"`
	Source       string  `json:"source"`
	Note         string  `json:"note,omitempty"`
	FromScope    *string `json:"from_scope,omitempty"`
	ToScope      *string `json:"to_scope,omitempty"`
	RequestID    *string `json:"request_id,omitempty"`
	CreatedBy    string  `json:"created_by,omitempty"`
	CreatedAt    string  `json:"created_at"`
}

// ReconcileReport summarizes a repair pass.
type ReconcileReport struct {
	Checked  int `json:"checked"`
	Repaired int `json:"repaired"`
	Repairs  []struct {
		AggregateID string `json:"aggregate_id"`
		BeforeCents int64  `json:"before_cents"`
		AfterCents  int64  `json:"after_cents"`
	} `json:"repairs,omitempty"`
	Failures []struct {
		AggregateID string `json:"aggregate_id"`
		Error       string `json:"error"`
	} `json:"failures,omitempty"`
}

// APIError wraps non-2xx responses.
type APIError struct {
	StatusCode int
	Body       string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("api error: status=%d body=%s", e.StatusCode, e.Body)
}

// Code extracts the error code from the JSON error envelope, if any.
func (e *APIError) Code() string {
	var env struct {
		Error struct {
			Code string `json:"code"`
		} `json:"error"`
	}
	if err := json.Unmarshal([]byte(e.Body), &env); err != nil {
		return ""
	}
	return env.Error.Code
}

// Health pings the server.
func (c *Client) Health(ctx context.Context) error {
	return c.do(ctx, http.MethodGet, "v0/health", nil, nil)
}

// SubmitRequest enqueues a request envelope. With wait set the server applies
// it before responding.
func (c *Client) SubmitRequest(ctx context.Context, requestType string, payload any, opID string, wait bool) (Request, error) {
	body := map[string]any{
		"type":    requestType,
		"payload": payload,
	}
	if opID != "" {
		body["op_id"] = opID
	}
	endpoint := c.accountPath("requests")
	if wait {
		endpoint += "?wait=true"
	}
	var resp Request
	err := c.do(ctx, http.MethodPost, endpoint, body, &resp)
	return resp, err
}

// GetRequest fetches one request envelope.
func (c *Client) GetRequest(ctx context.Context, id string) (Request, error) {
	var resp Request
	err := c.do(ctx, http.MethodGet, c.accountPath("requests/"+url.PathEscape(id)), nil, &resp)
	return resp, err
}

// ListRequests returns recent requests, optionally filtered by status.
func (c *Client) ListRequests(ctx context.Context, status string, limit int) ([]Request, error) {
	q := url.Values{}
	if status != "" {
		q.Set("status", status)
	}
	if limit > 0 {
		q.Set("limit", fmt.Sprint(limit))
	}
	endpoint := c.accountPath("requests")
	if len(q) > 0 {
		endpoint += "?" + q.Encode()
	}
	var resp struct {
		Items []Request `json:"items"`
	}
	err := c.do(ctx, http.MethodGet, endpoint, nil, &resp)
	return resp.Items, err
}

// CreateItem registers an item in the pool or a scope.
func (c *Client) CreateItem(ctx context.Context, item Item) (Item, error) {
	body := map[string]any{
		"name":     item.Name,
		"category": item.Category,
	}
	if item.ID != "" {
		body["id"] = item.ID
	}
	if item.PriceCents != nil {
		body["price_cents"] = *item.PriceCents
	}
	if item.PurchasePriceCents != nil {
		body["purchase_price_cents"] = *item.PurchasePriceCents
	}
	if item.ScopeID != nil {
		body["scope_id"] = *item.ScopeID
	}
	if len(item.Images) > 0 {
		body["images"] = item.Images
	}
	var resp Item
	err := c.do(ctx, http.MethodPost, c.accountPath("items"), body, &resp)
	return resp, err
}

func (c *Client) GetItem(ctx context.Context, id string) (Item, error) {
	var resp Item
	err := c.do(ctx, http.MethodGet, c.accountPath("items/"+url.PathEscape(id)), nil, &resp)
	return resp, err
}

// SetItemTransaction points an item at a transaction directly. A nil
// transactionID unlinks it.
func (c *Client) SetItemTransaction(ctx context.Context, itemID string, transactionID *string, note string) (Item, []Edge, error) {
	body := map[string]any{"transaction_id": transactionID}
	if note != "" {
		body["note"] = note
	}
	var resp struct {
		Item  Item   `json:"item"`
		Edges []Edge `json:"edges"`
	}
	err := c.do(ctx, http.MethodPut, c.accountPath("items/"+url.PathEscape(itemID)+"/transaction"), body, &resp)
	return resp.Item, resp.Edges, err
}

// Lineage returns an item's provenance edges oldest first.
func (c *Client) Lineage(ctx context.Context, itemID string) ([]Edge, error) {
	var resp struct {
		Items []Edge `json:"items"`
	}
	err := c.do(ctx, http.MethodGet, c.accountPath("items/"+url.PathEscape(itemID)+"/lineage"), nil, &resp)
	return resp.Items, err
}

// CreateTransaction enters a manual transaction.
func (c *Client) CreateTransaction(ctx context.Context, t Transaction) (Transaction, error) {
	body := map[string]any{
		"direction":    t.Direction,
		"category":     t.Category,
		"amount_cents": t.AmountCents,
		"is_return":    t.IsReturn,
	}
	if t.ScopeID != nil {
		body["scope_id"] = *t.ScopeID
	}
	if t.Note != "" {
		body["note"] = t.Note
	}
	if len(t.Receipts) > 0 {
		body["receipts"] = t.Receipts
	}
	var resp Transaction
	err := c.do(ctx, http.MethodPost, c.accountPath("transactions"), body, &resp)
	return resp, err
}

func (c *Client) ListTransactions(ctx context.Context, scopeID string, canonicalOnly bool) ([]Transaction, error) {
	q := url.Values{}
	if scopeID != "" {
		q.Set("scope_id", scopeID)
	}
	if canonicalOnly {
		q.Set("canonical", "true")
	}
	endpoint := c.accountPath("transactions")
	if len(q) > 0 {
		endpoint += "?" + q.Encode()
	}
	var resp struct {
		Items []Transaction `json:"items"`
	}
	err := c.do(ctx, http.MethodGet, endpoint, nil, &resp)
	return resp.Items, err
}

func (c *Client) GetTransaction(ctx context.Context, id string) (Transaction, error) {
	var resp Transaction
	err := c.do(ctx, http.MethodGet, c.accountPath("transactions/"+url.PathEscape(id)), nil, &resp)
	return resp, err
}

// Reconcile asks the server to repair drifted totals for the account.
func (c *Client) Reconcile(ctx context.Context) (ReconcileReport, error) {
	var resp ReconcileReport
	err := c.do(ctx, http.MethodPost, c.accountPath("reconcile"), nil, &resp)
	return resp, err
}

func (c *Client) do(ctx context.Context, method, endpoint string, body any, out any) error {
	if c.HTTPClient == nil {
		c.HTTPClient = &http.Client{Timeout: c.Timeout}
	}
	url := c.base() + "/" + strings.TrimLeft(endpoint, "/")
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
		return &APIError{StatusCode: resp.StatusCode, Body: string(b)}
	}
	if out != nil {
		return json.NewDecoder(resp.Body).Decode(out)
	}
	return nil
}

func (c *Client) accountPath(p string) string {
	account := url.PathEscape(c.AccountID)
	return fmt.Sprintf("v0/accounts/%s/%s", account, strings.TrimLeft(p, "/"))
}

func (c *Client) base() string {
	return strings.TrimRight(c.BaseURL, "/")
}

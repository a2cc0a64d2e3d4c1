package domain

import "encoding/json"

// Request envelope statuses. Only the executor moves a request out of pending.
const (
	RequestPending = "pending"
	RequestApplied = "applied"
	RequestFailed  = "failed"
)

// Aggregate directions.
const (
	DirectionPurchase = "purchase"
	DirectionSale     = "sale"
)

// Provenance movement kinds.
const (
	MovementSold        = "sold"
	MovementReversed    = "reversed"
	MovementReturned    = "returned"
	MovementAssociation = "association"
)

// Provenance sources.
const (
	SourceClient    = "client"
	SourceServer    = "server"
	SourceMigration = "migration"
)

// Attachment record statuses.
const (
	AttachmentLocalOnly = "local_only"
	AttachmentUploading = "uploading"
	AttachmentUploaded  = "uploaded"
	AttachmentFailed    = "failed"
)

// Upload job statuses.
const (
	JobQueued    = "queued"
	JobUploading = "uploading"
	JobFailed    = "failed"
	JobCompleted = "completed"
)

type Request struct {
	Seq          int64           `json:"-"`
	ID           string          `json:"id"`
	AccountID    string          `json:"account_id"`
	Type         string          `json:"type"`
	Status       string          `json:"status" enum:"pending,applied,failed"`
	OpID         *string         `json:"op_id,omitempty"`
	Payload      json.RawMessage `json:"payload"`
	CreatedBy    string          `json:"created_by,omitempty"`
	CreatedAt    string          `json:"created_at" format:"date-time"`
	AppliedAt    *string         `json:"applied_at,omitempty" format:"date-time"`
	Deduped      bool            `json:"deduped,omitempty"`
	DedupedFrom  *string         `json:"deduped_from,omitempty"`
	ErrorCode    *string         `json:"error_code,omitempty"`
	ErrorMessage *string         `json:"error_message,omitempty"`
}

// Terminal reports whether the executor is done with the request.
func (r Request) Terminal() bool {
	return r.Status == RequestApplied || r.Status == RequestFailed
}

// AttachmentRef is how any document field points at binary content. URL is
// either a remote location or a local-only reference owned by the media store.
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
	CreatedAt           string          `json:"created_at" format:"date-time"`
	UpdatedAt           string          `json:"updated_at" format:"date-time"`
}

// Aggregate is an accounting transaction. Canonical ones are derived and keyed
// by (scope, direction, category); the rest are entered by users.
type Aggregate struct {
	ID          string          `json:"id"`
	AccountID   string          `json:"account_id"`
	ScopeID     *string         `json:"scope_id,omitempty"`
	Direction   string          `json:"direction" enum:"purchase,sale"`
	Category    string          `json:"category"`
	AmountCents int64           `json:"amount_cents"`
	ItemIDs     []string        `json:"item_ids"`
	IsCanonical bool            `json:"is_canonical"`
	IsReturn    bool            `json:"is_return,omitempty"`
	Note        string          `json:"note,omitempty"`
	Receipts    []AttachmentRef `json:"receipts,omitempty"`
	CreatedAt   string          `json:"created_at" format:"date-time"`
	UpdatedAt   string          `json:"updated_at" format:"date-time"`
}

type Edge struct {
	ID           string  `json:"id"`
	AccountID    string  `json:"account_id"`
	ItemID       string  `json:"item_id"`
	FromRef      *string `json:"from_ref"`
	ToRef        *string `json:"to_ref"`
	MovementKind string  `json:"movement_kind"`
	Source       string  `json:"source" enum:"client,server,migration"`
	Note         string  `json:"note,omitempty"`
	FromScope    *string `json:"from_scope,omitempty"`
	ToScope      *string `json:"to_scope,omitempty"`
	RequestID    *string `json:"request_id,omitempty"`
	CreatedBy    string  `json:"created_by,omitempty"`
	CreatedAt    string  `json:"created_at" format:"date-time"`
}

type Attachment struct {
	ID         string `json:"id"`
	LocalURI   string `json:"local_uri"`
	Status     string `json:"status"`
	RemoteURL  string `json:"remote_url,omitempty"`
	OwnerScope string `json:"owner_scope"`
	MimeType   string `json:"mime_type"`
	SizeBytes  int64  `json:"size_bytes"`
	Cached     bool   `json:"cached"`
	CreatedAt  string `json:"created_at"`
	UpdatedAt  string `json:"updated_at"`
}

type UploadJob struct {
	ID              string `json:"id"`
	Seq             int64  `json:"seq"`
	MediaID         string `json:"media_id"`
	IdempotencyKey  string `json:"idempotency_key"`
	Status          string `json:"status"`
	AttemptCount    int    `json:"attempt_count"`
	DestinationPath string `json:"destination_path,omitempty"`
	RemoteURL       string `json:"remote_url,omitempty"`
	LastError       string `json:"last_error,omitempty"`
	Permanent       bool   `json:"permanent,omitempty"`
	CreatedAt       string `json:"created_at"`
	UpdatedAt       string `json:"updated_at"`
}

type APIKey struct {
	ID        string `json:"id"`
	ActorID   string `json:"actor_id"`
	Name      string `json:"name,omitempty"`
	KeyHash   string `json:"-"`
	CreatedAt string `json:"created_at" format:"date-time"`
}

package server

import (
	"stockline/internal/domain"
	"stockline/internal/ledger"
)

// Request payloads

type CreateRequestBody struct {
	Type    string         `json:"type" example:"item.pool_to_scope"`
	Payload map[string]any `json:"payload,omitempty"`
	OpID    *string        `json:"op_id,omitempty"`
}

type CreateItemRequest struct {
	ID                 *string                `json:"id,omitempty"`
	Name               string                 `json:"name"`
	Category           string                 `json:"category,omitempty"`
	PriceCents         *int64                 `json:"price_cents,omitempty" minimum:"0"`
	PurchasePriceCents *int64                 `json:"purchase_price_cents,omitempty" minimum:"0"`
	ScopeID            *string                `json:"scope_id,omitempty"`
	Images             []domain.AttachmentRef `json:"images,omitempty"`
}

type SetItemTransactionRequest struct {
	TransactionID *string `json:"transaction_id" nullable:"true"`
	Note          string  `json:"note,omitempty"`
}

type SetItemPricesRequest struct {
	PriceCents         *int64 `json:"price_cents,omitempty" minimum:"0"`
	PurchasePriceCents *int64 `json:"purchase_price_cents,omitempty" minimum:"0"`
}

type CreateTransactionRequest struct {
	ScopeID     *string                `json:"scope_id,omitempty"`
	Direction   string                 `json:"direction" enum:"purchase,sale"`
	Category    string                 `json:"category,omitempty"`
	AmountCents int64                  `json:"amount_cents" minimum:"0"`
	IsReturn    bool                   `json:"is_return,omitempty"`
	Note        string                 `json:"note,omitempty"`
	Receipts    []domain.AttachmentRef `json:"receipts,omitempty"`
}

// Response payloads

type RequestList struct {
	Items []domain.Request `json:"items"`
}

type ItemTransactionResponse struct {
	Item  domain.Item   `json:"item"`
	Edges []domain.Edge `json:"edges"`
}

type LineageResponse struct {
	Items []domain.Edge `json:"items"`
}

type TransactionList struct {
	Items []domain.Aggregate `json:"items"`
}

type ReconcileResponse = ledger.Report

func nonNilRequests(items []domain.Request) []domain.Request {
	if items == nil {
		return []domain.Request{}
	}
	return items
}

func nonNilEdges(items []domain.Edge) []domain.Edge {
	if items == nil {
		return []domain.Edge{}
	}
	return items
}

func nonNilAggregates(items []domain.Aggregate) []domain.Aggregate {
	if items == nil {
		return []domain.Aggregate{}
	}
	return items
}

package engine

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"stockline/internal/domain"
	"stockline/internal/provenance"
	"stockline/internal/repo"
)

// ItemInput creates an item outside of any aggregate.
type ItemInput struct {
	AccountID          string
	ID                 string
	Name               string
	Category           string
	PriceCents         *int64
	PurchasePriceCents *int64
	ScopeID            *string
	Images             []domain.AttachmentRef
}

func (e *Executor) CreateItem(ctx context.Context, in ItemInput) (domain.Item, error) {
	if strings.TrimSpace(in.AccountID) == "" {
		return domain.Item{}, errors.New("account id required")
	}
	if strings.TrimSpace(in.Name) == "" {
		return domain.Item{}, errors.New("item name required")
	}
	if negative(in.PriceCents) || negative(in.PurchasePriceCents) {
		return domain.Item{}, errors.New("prices cannot be negative")
	}
	if in.ID == "" {
		in.ID = uuid.NewString()
	}
	now := e.now()
	it := domain.Item{
		ID:                 in.ID,
		AccountID:          in.AccountID,
		Name:               in.Name,
		Category:           in.Category,
		PriceCents:         in.PriceCents,
		PurchasePriceCents: in.PurchasePriceCents,
		ScopeID:            in.ScopeID,
		Images:             in.Images,
		CreatedAt:          now,
		UpdatedAt:          now,
	}
	if err := e.Repo.InsertItem(ctx, nil, it); err != nil {
		return domain.Item{}, fmt.Errorf("insert item: %w", err)
	}
	return it, nil
}

// GetItem returns the item when it belongs to accountID.
func (e *Executor) GetItem(ctx context.Context, accountID, itemID string) (domain.Item, error) {
	return e.itemInAccount(ctx, nil, accountID, itemID)
}

func (e *Executor) itemInAccount(ctx context.Context, tx *sql.Tx, accountID, itemID string) (domain.Item, error) {
	it, err := e.Repo.GetItem(ctx, tx, itemID)
	if err != nil {
		return domain.Item{}, err
	}
	if it.AccountID != accountID {
		return domain.Item{}, repo.ErrNotFound
	}
	return it, nil
}

// SetItemPrices revalues an item and recomputes every aggregate it points at.
func (e *Executor) SetItemPrices(ctx context.Context, accountID, itemID string, price, purchase *int64) (domain.Item, error) {
	if negative(price) || negative(purchase) {
		return domain.Item{}, errors.New("prices cannot be negative")
	}
	var out domain.Item
	err := e.Repo.WithTx(ctx, e.txAttempts(), func(tx *sql.Tx) error {
		if _, err := e.itemInAccount(ctx, tx, accountID, itemID); err != nil {
			return err
		}
		if err := e.Repo.UpdateItemPrices(ctx, tx, itemID, price, purchase, e.now()); err != nil {
			return err
		}
		links, err := e.Repo.ItemLinks(ctx, tx, itemID)
		if err != nil {
			return err
		}
		for _, txID := range links {
			if err := e.Ledger.Recompute(ctx, tx, accountID, txID); err != nil {
				return fmt.Errorf("recompute %s: %w", txID, err)
			}
		}
		out, err = e.Repo.GetItem(ctx, tx, itemID)
		return err
	})
	return out, err
}

// LinkInput is a direct edit of an item's active transaction.
type LinkInput struct {
	AccountID string
	ItemID    string
	// TransactionID nil unlinks the item.
	TransactionID *string
	ActorID       string
	Source        string
	Note          string
	ChangeID      string
}

// LinkItem points an item at a transaction without going through the request
// queue. The membership link moves, both aggregates are recomputed, and the
// change is recorded as an association edge.
func (e *Executor) LinkItem(ctx context.Context, in LinkInput) (domain.Item, []domain.Edge, error) {
	var out domain.Item
	var edges []domain.Edge
	err := e.Repo.WithTx(ctx, e.txAttempts(), func(tx *sql.Tx) error {
		it, err := e.itemInAccount(ctx, tx, in.AccountID, in.ItemID)
		if err != nil {
			return err
		}
		if sameRef(it.ActiveTransactionID, in.TransactionID) {
			out, edges = it, nil
			return nil
		}
		if in.TransactionID != nil {
			if _, err := e.Repo.GetAggregate(ctx, tx, in.AccountID, *in.TransactionID); err != nil {
				return fmt.Errorf("transaction %s: %w", *in.TransactionID, err)
			}
		}
		before := it.ActiveTransactionID
		now := e.now()
		if before != nil {
			if err := e.Repo.UnlinkItem(ctx, tx, in.AccountID, *before, it.ID); err != nil {
				return err
			}
			if err := e.Ledger.Recompute(ctx, tx, in.AccountID, *before); err != nil {
				return err
			}
		}
		latest := it.LatestTransactionID
		if in.TransactionID != nil {
			if err := e.Repo.LinkItem(ctx, tx, in.AccountID, *in.TransactionID, it.ID, now); err != nil {
				return err
			}
			if err := e.Ledger.Recompute(ctx, tx, in.AccountID, *in.TransactionID); err != nil {
				return err
			}
			latest = in.TransactionID
		}
		if err := e.Repo.UpdateItemPlacement(ctx, tx, it.ID, repo.Placement{
			ScopeID:             it.ScopeID,
			ActiveTransactionID: in.TransactionID,
			LatestTransactionID: latest,
		}, now); err != nil {
			return err
		}
		edges, err = e.Trigger.ActiveTransactionChanged(ctx, tx, provenanceChange(in, it))
		if err != nil {
			return err
		}
		out, err = e.Repo.GetItem(ctx, tx, it.ID)
		return err
	})
	if err != nil {
		return domain.Item{}, nil, err
	}
	if len(edges) > 0 {
		e.Logger.Info("item transaction changed",
			zap.String("item_id", in.ItemID),
			zap.Stringp("transaction_id", in.TransactionID),
			zap.Int("edges", len(edges)))
	}
	return out, edges, nil
}

// TransactionInput creates a user-entered, non-canonical transaction.
type TransactionInput struct {
	AccountID   string
	ScopeID     *string
	Direction   string
	Category    string
	AmountCents int64
	IsReturn    bool
	Note        string
	Receipts    []domain.AttachmentRef
}

func (e *Executor) CreateTransaction(ctx context.Context, in TransactionInput) (domain.Aggregate, error) {
	if strings.TrimSpace(in.AccountID) == "" {
		return domain.Aggregate{}, errors.New("account id required")
	}
	if in.Direction != domain.DirectionPurchase && in.Direction != domain.DirectionSale {
		return domain.Aggregate{}, fmt.Errorf("direction must be %s or %s", domain.DirectionPurchase, domain.DirectionSale)
	}
	if in.AmountCents < 0 {
		return domain.Aggregate{}, errors.New("amount cannot be negative")
	}
	now := e.now()
	agg := domain.Aggregate{
		ID:          "txn_" + uuid.NewString(),
		AccountID:   in.AccountID,
		ScopeID:     in.ScopeID,
		Direction:   in.Direction,
		Category:    in.Category,
		AmountCents: in.AmountCents,
		ItemIDs:     []string{},
		IsReturn:    in.IsReturn,
		Note:        in.Note,
		Receipts:    in.Receipts,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	if err := e.Repo.InsertAggregate(ctx, nil, agg); err != nil {
		return domain.Aggregate{}, fmt.Errorf("insert transaction: %w", err)
	}
	return agg, nil
}

func provenanceChange(in LinkInput, it domain.Item) provenance.Change {
	return provenance.Change{
		AccountID: in.AccountID,
		ItemID:    it.ID,
		Before:    it.ActiveTransactionID,
		After:     in.TransactionID,
		FromScope: it.ScopeID,
		ToScope:   it.ScopeID,
		Source:    in.Source,
		ActorID:   in.ActorID,
		Note:      in.Note,
		ChangeID:  in.ChangeID,
	}
}

func negative(v *int64) bool {
	return v != nil && *v < 0
}

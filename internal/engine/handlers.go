package engine

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"stockline/internal/domain"
	"stockline/internal/envelope"
	"stockline/internal/ledger"
	"stockline/internal/provenance"
	"stockline/internal/repo"
)

// Movements implements the item movement handlers. Every method runs inside
// the request transaction supplied by the executor.
type Movements struct {
	Repo    repo.Repo
	Ledger  ledger.Engine
	Lineage provenance.Writer
	Now     func() time.Time
}

func (m Movements) now() string {
	now := m.Now
	if now == nil {
		now = time.Now
	}
	return now().UTC().Format(time.RFC3339)
}

// ScopeToPool returns an item from a scope to the pool. An item whose active
// aggregate is the scope's purchase for the category has that allocation
// cancelled; any other item is recorded as sold out of the scope.
func (m Movements) ScopeToPool(ctx context.Context, tx *sql.Tx, req domain.Request, cmd envelope.ScopeToPool) error {
	it, err := m.load(ctx, tx, req, cmd)
	if err != nil {
		return err
	}
	if !refIs(it.ScopeID, cmd.ScopeID) {
		return FailedPrecondition("item %s is not in scope %s", it.ID, cmd.ScopeID)
	}
	scope := cmd.ScopeID
	category := categoryFor(cmd.Category, it)
	purchase := ledger.Spec(req.AccountID, domain.DirectionPurchase, &scope, category)
	if refIs(it.ActiveTransactionID, purchase.ID) {
		if err := m.change(ctx, tx, purchase, nil, it.ID); err != nil {
			return err
		}
		if err := m.place(ctx, tx, it.ID, nil, nil, &purchase.ID); err != nil {
			return err
		}
		return m.edge(ctx, tx, req, it, cmd.Note, domain.MovementReversed, "", &purchase.ID, nil, &scope, nil)
	}
	sale := ledger.Spec(req.AccountID, domain.DirectionSale, &scope, category)
	if err := m.change(ctx, tx, sale, []string{it.ID}, ""); err != nil {
		return err
	}
	if err := m.place(ctx, tx, it.ID, nil, &sale.ID, &sale.ID); err != nil {
		return err
	}
	return m.edge(ctx, tx, req, it, cmd.Note, domain.MovementSold, "", it.ActiveTransactionID, &sale.ID, &scope, nil)
}

// PoolToScope allocates a pool item to a scope. An item whose active aggregate
// is that scope's sale for the category has the sale cancelled; any other item
// is recorded as purchased into the scope.
func (m Movements) PoolToScope(ctx context.Context, tx *sql.Tx, req domain.Request, cmd envelope.PoolToScope) error {
	it, err := m.load(ctx, tx, req, cmd)
	if err != nil {
		return err
	}
	if it.ScopeID != nil {
		return FailedPrecondition("item %s is in scope %s, not in the pool", it.ID, *it.ScopeID)
	}
	scope := cmd.ScopeID
	category := categoryFor(cmd.Category, it)
	sale := ledger.Spec(req.AccountID, domain.DirectionSale, &scope, category)
	if refIs(it.ActiveTransactionID, sale.ID) {
		if err := m.change(ctx, tx, sale, nil, it.ID); err != nil {
			return err
		}
		if err := m.place(ctx, tx, it.ID, &scope, nil, &sale.ID); err != nil {
			return err
		}
		return m.edge(ctx, tx, req, it, cmd.Note, domain.MovementReversed, "", &sale.ID, nil, nil, &scope)
	}
	purchase := ledger.Spec(req.AccountID, domain.DirectionPurchase, &scope, category)
	if err := m.change(ctx, tx, purchase, []string{it.ID}, ""); err != nil {
		return err
	}
	if err := m.place(ctx, tx, it.ID, &scope, &purchase.ID, &purchase.ID); err != nil {
		return err
	}
	return m.edge(ctx, tx, req, it, cmd.Note, domain.MovementSold, "", it.ActiveTransactionID, &purchase.ID, nil, &scope)
}

// ScopeToScope moves an item between scopes in two hops: out of the origin
// (cancelling its allocation there when it is still open, selling it
// otherwise) and into the destination's purchase aggregate.
func (m Movements) ScopeToScope(ctx context.Context, tx *sql.Tx, req domain.Request, cmd envelope.ScopeToScope) error {
	it, err := m.load(ctx, tx, req, cmd)
	if err != nil {
		return err
	}
	if !refIs(it.ScopeID, cmd.FromScopeID) {
		return FailedPrecondition("item %s is not in scope %s", it.ID, cmd.FromScopeID)
	}
	from, to := cmd.FromScopeID, cmd.ToScopeID
	category := categoryFor(cmd.Category, it)

	var hop1From, hop1To *string
	hop1Kind := domain.MovementSold
	originPurchase := ledger.Spec(req.AccountID, domain.DirectionPurchase, &from, category)
	if refIs(it.ActiveTransactionID, originPurchase.ID) {
		if err := m.change(ctx, tx, originPurchase, nil, it.ID); err != nil {
			return err
		}
		hop1Kind = domain.MovementReversed
		hop1From = &originPurchase.ID
	} else {
		sale := ledger.Spec(req.AccountID, domain.DirectionSale, &from, category)
		if err := m.change(ctx, tx, sale, []string{it.ID}, ""); err != nil {
			return err
		}
		hop1From, hop1To = it.ActiveTransactionID, &sale.ID
	}

	dest := ledger.Spec(req.AccountID, domain.DirectionPurchase, &to, category)
	if err := m.change(ctx, tx, dest, []string{it.ID}, ""); err != nil {
		return err
	}
	if err := m.place(ctx, tx, it.ID, &to, &dest.ID, &dest.ID); err != nil {
		return err
	}
	if err := m.edge(ctx, tx, req, it, cmd.Note, hop1Kind, provenance.Hop1, hop1From, hop1To, &from, nil); err != nil {
		return err
	}
	return m.edge(ctx, tx, req, it, cmd.Note, domain.MovementSold, provenance.Hop2, hop1To, &dest.ID, nil, &to)
}

// load reads the item and checks the request's snapshot against it.
func (m Movements) load(ctx context.Context, tx *sql.Tx, req domain.Request, cmd envelope.Command) (domain.Item, error) {
	it, err := m.Repo.GetItem(ctx, tx, cmd.ItemID())
	if errors.Is(err, repo.ErrNotFound) || (err == nil && it.AccountID != req.AccountID) {
		return domain.Item{}, NotFound("item %s not found", cmd.ItemID())
	}
	if err != nil {
		return domain.Item{}, err
	}
	exp := cmd.Preconditions()
	if !sameRef(exp.Scope, it.ScopeID) {
		return domain.Item{}, FailedPrecondition("item %s scope is %s, expected %s", it.ID, show(it.ScopeID), show(exp.Scope))
	}
	if !sameRef(exp.TransactionRef, it.ActiveTransactionID) {
		return domain.Item{}, FailedPrecondition("item %s transaction is %s, expected %s", it.ID, show(it.ActiveTransactionID), show(exp.TransactionRef))
	}
	return it, nil
}

// change adds or removes one item from a canonical aggregate.
func (m Movements) change(ctx context.Context, tx *sql.Tx, spec ledger.AggregateSpec, add []string, remove string) error {
	var rm []string
	if remove != "" {
		rm = []string{remove}
	}
	if _, err := m.Ledger.ChangeMembership(ctx, tx, spec, add, rm); err != nil {
		if errors.Is(err, ledger.ErrAggregateFull) {
			return ResourceExhausted("%v", err)
		}
		return fmt.Errorf("update aggregate %s: %w", spec.ID, err)
	}
	return nil
}

func (m Movements) place(ctx context.Context, tx *sql.Tx, itemID string, scope, active, latest *string) error {
	return m.Repo.UpdateItemPlacement(ctx, tx, itemID, repo.Placement{
		ScopeID:             scope,
		ActiveTransactionID: active,
		LatestTransactionID: latest,
	}, m.now())
}

func (m Movements) edge(ctx context.Context, tx *sql.Tx, req domain.Request, it domain.Item, note, kind, hop string, from, to, fromScope, toScope *string) error {
	requestID := req.ID
	_, err := m.Lineage.Append(ctx, tx, domain.Edge{
		ID:           provenance.EdgeID(req.ID, it.ID, kind, hop),
		AccountID:    req.AccountID,
		ItemID:       it.ID,
		FromRef:      from,
		ToRef:        to,
		MovementKind: kind,
		Source:       domain.SourceServer,
		Note:         note,
		FromScope:    fromScope,
		ToScope:      toScope,
		RequestID:    &requestID,
		CreatedBy:    req.CreatedBy,
	})
	if err != nil {
		return fmt.Errorf("append %s edge: %w", kind, err)
	}
	return nil
}

func categoryFor(requested string, it domain.Item) string {
	switch {
	case requested != "":
		return requested
	case it.Category != "":
		return it.Category
	default:
		return ledger.DefaultCategory
	}
}

func refIs(ref *string, id string) bool {
	return ref != nil && *ref == id
}

func sameRef(a, b *string) bool {
	if a == nil || b == nil {
		return a == nil && b == nil
	}
	return *a == *b
}

func show(ref *string) string {
	if ref == nil {
		return "none"
	}
	return *ref
}

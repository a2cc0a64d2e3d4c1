package ledger

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"math"
	"sort"
	"time"

	"go.uber.org/zap"

	"stockline/internal/domain"
	"stockline/internal/repo"
)

// MaxItemsPerAggregate caps the membership of one canonical aggregate.
const MaxItemsPerAggregate = 5000

// ErrAggregateFull is returned when a membership change would exceed the
// aggregate item cap.
var ErrAggregateFull = errors.New("aggregate item limit reached")

// Totals is the derived part of an aggregate.
type Totals struct {
	AmountCents int64    `json:"amount_cents"`
	ItemIDs     []string `json:"item_ids"`
}

// AggregateSpec identifies a canonical aggregate and its base fields.
type AggregateSpec struct {
	AccountID string
	ID        string
	ScopeID   *string
	Direction string
	Category  string
}

// Spec describes the canonical aggregate of the triple.
func Spec(accountID, direction string, scope *string, category string) AggregateSpec {
	return AggregateSpec{
		AccountID: accountID,
		ID:        AggregateID(direction, scope, category),
		ScopeID:   scope,
		Direction: direction,
		Category:  category,
	}
}

type Engine struct {
	Repo       repo.Repo
	Now        func() time.Time
	Logger     *zap.Logger
	TxAttempts int
	// MaxItems overrides MaxItemsPerAggregate when positive.
	MaxItems int
}

func New(r repo.Repo, logger *zap.Logger) Engine {
	if logger == nil {
		logger = zap.NewNop()
	}
	return Engine{Repo: r, Now: time.Now, Logger: logger, TxAttempts: 5}
}

func (e Engine) maxItems() int {
	if e.MaxItems > 0 {
		return e.MaxItems
	}
	return MaxItemsPerAggregate
}

func (e Engine) now() string {
	now := e.Now
	if now == nil {
		now = time.Now
	}
	return now().UTC().Format(time.RFC3339)
}

// Totals reads the items pointing at the aggregate, applies the adjustment
// and sums their values. The amount never goes below zero.
func (e Engine) Totals(ctx context.Context, tx *sql.Tx, accountID, aggregateID string, add, remove []string) (Totals, error) {
	members, err := e.Repo.MemberValues(ctx, tx, accountID, aggregateID)
	if err != nil {
		return Totals{}, fmt.Errorf("read members of %s: %w", aggregateID, err)
	}
	values := make(map[string]int64, len(members)+len(add))
	for _, m := range members {
		values[m.ItemID] = ItemValue(m)
	}
	var missing []string
	for _, id := range add {
		if _, ok := values[id]; !ok {
			missing = append(missing, id)
		}
	}
	if len(missing) > 0 {
		added, err := e.Repo.ItemValues(ctx, tx, missing)
		if err != nil {
			return Totals{}, fmt.Errorf("read added items: %w", err)
		}
		for _, m := range added {
			values[m.ItemID] = ItemValue(m)
		}
	}
	for _, id := range remove {
		delete(values, id)
	}
	var sum int64
	ids := make([]string, 0, len(values))
	for id, v := range values {
		sum = addSaturating(sum, v)
		ids = append(ids, id)
	}
	sort.Strings(ids)
	if sum < 0 {
		sum = 0
	}
	return Totals{AmountCents: sum, ItemIDs: ids}, nil
}

// Exists reports whether the aggregate document is present.
func (e Engine) Exists(ctx context.Context, tx *sql.Tx, accountID, id string) (bool, error) {
	_, err := e.Repo.GetAggregate(ctx, tx, accountID, id)
	if errors.Is(err, repo.ErrNotFound) {
		return false, nil
	}
	return err == nil, err
}

// EnsureAggregate creates the aggregate with empty totals, or merges its base
// fields when it already exists. Membership is never touched here.
func (e Engine) EnsureAggregate(ctx context.Context, tx *sql.Tx, spec AggregateSpec, exists bool) error {
	now := e.now()
	agg := domain.Aggregate{
		ID:          spec.ID,
		AccountID:   spec.AccountID,
		ScopeID:     spec.ScopeID,
		Direction:   spec.Direction,
		Category:    spec.Category,
		ItemIDs:     []string{},
		IsCanonical: true,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	if exists {
		return e.Repo.MergeAggregateBase(ctx, tx, agg)
	}
	return e.Repo.InsertAggregate(ctx, tx, agg)
}

// Apply writes totals onto the aggregate document.
func (e Engine) Apply(ctx context.Context, tx *sql.Tx, accountID, id string, t Totals) error {
	return e.Repo.UpdateAggregateTotals(ctx, tx, accountID, id, t.AmountCents, t.ItemIDs, e.now())
}

// ChangeMembership adds and removes items from one canonical aggregate:
// totals are computed with the adjustment, the aggregate is ensured and
// updated, and the membership links are rewritten, all in tx.
func (e Engine) ChangeMembership(ctx context.Context, tx *sql.Tx, spec AggregateSpec, add, remove []string) (Totals, error) {
	exists, err := e.Exists(ctx, tx, spec.AccountID, spec.ID)
	if err != nil {
		return Totals{}, err
	}
	t, err := e.Totals(ctx, tx, spec.AccountID, spec.ID, add, remove)
	if err != nil {
		return Totals{}, err
	}
	if len(add) > 0 && len(t.ItemIDs) > e.maxItems() {
		return Totals{}, fmt.Errorf("%w: %s would hold %d items", ErrAggregateFull, spec.ID, len(t.ItemIDs))
	}
	if err := e.EnsureAggregate(ctx, tx, spec, exists); err != nil {
		return Totals{}, fmt.Errorf("ensure aggregate %s: %w", spec.ID, err)
	}
	if err := e.Apply(ctx, tx, spec.AccountID, spec.ID, t); err != nil {
		return Totals{}, fmt.Errorf("apply totals %s: %w", spec.ID, err)
	}
	now := e.now()
	for _, id := range remove {
		if err := e.Repo.UnlinkItem(ctx, tx, spec.AccountID, spec.ID, id); err != nil {
			return Totals{}, err
		}
	}
	for _, id := range add {
		if err := e.Repo.LinkItem(ctx, tx, spec.AccountID, spec.ID, id, now); err != nil {
			return Totals{}, err
		}
	}
	e.Logger.Debug("aggregate membership changed",
		zap.String("aggregate_id", spec.ID),
		zap.Int64("amount_cents", t.AmountCents),
		zap.Int("items", len(t.ItemIDs)))
	return t, nil
}

// Recompute refreshes an existing aggregate from its current membership.
// A user-entered aggregate keeps its amount; only its item list follows.
func (e Engine) Recompute(ctx context.Context, tx *sql.Tx, accountID, id string) error {
	agg, err := e.Repo.GetAggregate(ctx, tx, accountID, id)
	if errors.Is(err, repo.ErrNotFound) {
		return nil
	}
	if err != nil {
		return err
	}
	t, err := e.Totals(ctx, tx, accountID, id, nil, nil)
	if err != nil {
		return err
	}
	if !agg.IsCanonical {
		t.AmountCents = agg.AmountCents
	}
	return e.Apply(ctx, tx, accountID, id, t)
}

// addSaturating pins the sum at the int64 bounds instead of wrapping.
func addSaturating(a, b int64) int64 {
	switch {
	case b > 0 && a > math.MaxInt64-b:
		return math.MaxInt64
	case b < 0 && a < math.MinInt64-b:
		return math.MinInt64
	}
	return a + b
}

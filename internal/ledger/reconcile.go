package ledger

import (
	"context"
	"database/sql"
	"fmt"
	"slices"
	"sync"

	"go.uber.org/zap"
)

// Repair records one aggregate whose stored totals had drifted.
type Repair struct {
	AccountID   string `json:"account_id"`
	AggregateID string `json:"aggregate_id"`
	BeforeCents int64  `json:"before_cents"`
	AfterCents  int64  `json:"after_cents"`
	BeforeItems int    `json:"before_items"`
	AfterItems  int    `json:"after_items"`
}

// Failure records an aggregate that could not be checked or repaired.
type Failure struct {
	AccountID   string `json:"account_id"`
	AggregateID string `json:"aggregate_id"`
	Error       string `json:"error"`
}

type Report struct {
	Checked  int       `json:"checked"`
	Repaired int       `json:"repaired"`
	Repairs  []Repair  `json:"repairs,omitempty"`
	Failures []Failure `json:"failures,omitempty"`
}

// reconcileMu keeps two repair passes in one process from interleaving.
var reconcileMu sync.Mutex

// Reconcile recomputes every canonical aggregate of accountID (all accounts
// when empty) from the items that point at it and rewrites the ones that
// drifted. Each aggregate is checked in its own write transaction, so a
// handler touching the same aggregate runs strictly before or after the
// check. One aggregate failing does not stop the others. No lineage edges are
// written.
func (e Engine) Reconcile(ctx context.Context, accountID string) (Report, error) {
	reconcileMu.Lock()
	defer reconcileMu.Unlock()

	keys, err := e.Repo.CanonicalAggregateKeys(ctx, accountID)
	if err != nil {
		return Report{}, fmt.Errorf("list canonical aggregates: %w", err)
	}
	var report Report
	for _, k := range keys {
		if err := ctx.Err(); err != nil {
			return report, err
		}
		report.Checked++
		var repair *Repair
		err := e.Repo.WithTx(ctx, e.TxAttempts, func(tx *sql.Tx) error {
			repair = nil
			agg, err := e.Repo.GetAggregate(ctx, tx, k.AccountID, k.ID)
			if err != nil {
				return err
			}
			t, err := e.Totals(ctx, tx, k.AccountID, k.ID, nil, nil)
			if err != nil {
				return err
			}
			stored := slices.Clone(agg.ItemIDs)
			slices.Sort(stored)
			if agg.AmountCents == t.AmountCents && slices.Equal(stored, t.ItemIDs) {
				return nil
			}
			if err := e.Apply(ctx, tx, k.AccountID, k.ID, t); err != nil {
				return err
			}
			repair = &Repair{
				AccountID:   k.AccountID,
				AggregateID: k.ID,
				BeforeCents: agg.AmountCents,
				AfterCents:  t.AmountCents,
				BeforeItems: len(agg.ItemIDs),
				AfterItems:  len(t.ItemIDs),
			}
			return nil
		})
		if err != nil {
			e.Logger.Warn("aggregate repair failed",
				zap.String("account_id", k.AccountID),
				zap.String("aggregate_id", k.ID),
				zap.Error(err))
			report.Failures = append(report.Failures, Failure{AccountID: k.AccountID, AggregateID: k.ID, Error: err.Error()})
			continue
		}
		if repair != nil {
			e.Logger.Info("aggregate repaired",
				zap.String("aggregate_id", k.ID),
				zap.Int64("before_cents", repair.BeforeCents),
				zap.Int64("after_cents", repair.AfterCents))
			report.Repaired++
			report.Repairs = append(report.Repairs, *repair)
		}
	}
	return report, nil
}

package repo

import (
	"context"
	"database/sql"
	"errors"

	"stockline/internal/domain"
)

const aggregateColumns = `id,account_id,scope_id,direction,category,amount_cents,item_ids_json,is_canonical,is_return,COALESCE(note,''),receipts_json,created_at,updated_at`

func scanAggregate(row rowScanner) (domain.Aggregate, error) {
	var a domain.Aggregate
	var scope sql.NullString
	var itemIDs, receipts string
	var canonical, isReturn int
	err := row.Scan(&a.ID, &a.AccountID, &scope, &a.Direction, &a.Category, &a.AmountCents, &itemIDs, &canonical, &isReturn, &a.Note, &receipts, &a.CreatedAt, &a.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return a, ErrNotFound
	}
	if err != nil {
		return a, err
	}
	a.ScopeID = strPtr(scope)
	a.ItemIDs = unmarshalStrings(itemIDs)
	a.IsCanonical = canonical == 1
	a.IsReturn = isReturn == 1
	a.Receipts = unmarshalRefs(receipts)
	return a, nil
}

func (r Repo) GetAggregate(ctx context.Context, tx *sql.Tx, accountID, id string) (domain.Aggregate, error) {
	return scanAggregate(r.q(tx).QueryRowContext(ctx, `SELECT `+aggregateColumns+` FROM transactions WHERE account_id=? AND id=?`, accountID, id))
}

func (r Repo) InsertAggregate(ctx context.Context, tx *sql.Tx, a domain.Aggregate) error {
	_, err := r.q(tx).ExecContext(ctx, `INSERT INTO transactions(id,account_id,scope_id,direction,category,amount_cents,item_ids_json,is_canonical,is_return,note,receipts_json,created_at,updated_at) VALUES (?,?,?,?,?,?,?,?,?,?,?,?,?)`,
		a.ID, a.AccountID, nullableStr(a.ScopeID), a.Direction, a.Category, a.AmountCents, marshalStrings(a.ItemIDs),
		boolInt(a.IsCanonical), boolInt(a.IsReturn), nullable(a.Note), marshalRefs(a.Receipts), a.CreatedAt, a.UpdatedAt)
	return err
}

// MergeAggregateBase rewrites the identifying fields only; membership and
// totals are left alone.
func (r Repo) MergeAggregateBase(ctx context.Context, tx *sql.Tx, a domain.Aggregate) error {
	_, err := r.q(tx).ExecContext(ctx, `UPDATE transactions SET scope_id=?, direction=?, category=?, is_canonical=?, updated_at=? WHERE account_id=? AND id=?`,
		nullableStr(a.ScopeID), a.Direction, a.Category, boolInt(a.IsCanonical), a.UpdatedAt, a.AccountID, a.ID)
	return err
}

func (r Repo) UpdateAggregateTotals(ctx context.Context, tx *sql.Tx, accountID, id string, amountCents int64, itemIDs []string, updatedAt string) error {
	res, err := r.q(tx).ExecContext(ctx, `UPDATE transactions SET amount_cents=?, item_ids_json=?, updated_at=? WHERE account_id=? AND id=?`,
		amountCents, marshalStrings(itemIDs), updatedAt, accountID, id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func (r Repo) UpdateAggregateReceipts(ctx context.Context, tx *sql.Tx, accountID, id string, receipts []domain.AttachmentRef, updatedAt string) error {
	_, err := r.q(tx).ExecContext(ctx, `UPDATE transactions SET receipts_json=?, updated_at=? WHERE account_id=? AND id=?`, marshalRefs(receipts), updatedAt, accountID, id)
	return err
}

type AggregateFilter struct {
	AccountID     string
	ScopeID       string
	CanonicalOnly bool
}

func (r Repo) ListAggregates(ctx context.Context, f AggregateFilter) ([]domain.Aggregate, error) {
	query := `SELECT ` + aggregateColumns + ` FROM transactions WHERE 1=1`
	var args []any
	if f.AccountID != "" {
		query += ` AND account_id=?`
		args = append(args, f.AccountID)
	}
	if f.ScopeID != "" {
		query += ` AND scope_id=?`
		args = append(args, f.ScopeID)
	}
	if f.CanonicalOnly {
		query += ` AND is_canonical=1`
	}
	query += ` ORDER BY id`
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Aggregate
	for rows.Next() {
		a, err := scanAggregate(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, a)
	}
	return res, rows.Err()
}

// AggregateKey addresses one aggregate.
type AggregateKey struct {
	AccountID string
	ID        string
}

// CanonicalAggregateKeys lists derived aggregates, across accounts when accountID is empty.
func (r Repo) CanonicalAggregateKeys(ctx context.Context, accountID string) ([]AggregateKey, error) {
	query := `SELECT account_id, id FROM transactions WHERE is_canonical=1`
	var args []any
	if accountID != "" {
		query += ` AND account_id=?`
		args = append(args, accountID)
	}
	query += ` ORDER BY account_id, id`
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var keys []AggregateKey
	for rows.Next() {
		var k AggregateKey
		if err := rows.Scan(&k.AccountID, &k.ID); err != nil {
			return nil, err
		}
		keys = append(keys, k)
	}
	return keys, rows.Err()
}

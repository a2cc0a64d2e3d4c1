package repo

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"stockline/internal/domain"
)

const itemColumns = `id,account_id,name,category,price_cents,purchase_price_cents,scope_id,active_transaction_id,latest_transaction_id,images_json,created_at,updated_at`

func scanItem(row rowScanner) (domain.Item, error) {
	var it domain.Item
	var price, purchase sql.NullInt64
	var scope, active, latest sql.NullString
	var images string
	err := row.Scan(&it.ID, &it.AccountID, &it.Name, &it.Category, &price, &purchase, &scope, &active, &latest, &images, &it.CreatedAt, &it.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return it, ErrNotFound
	}
	if err != nil {
		return it, err
	}
	it.PriceCents = intPtr(price)
	it.PurchasePriceCents = intPtr(purchase)
	it.ScopeID = strPtr(scope)
	it.ActiveTransactionID = strPtr(active)
	it.LatestTransactionID = strPtr(latest)
	it.Images = unmarshalRefs(images)
	return it, nil
}

func (r Repo) InsertItem(ctx context.Context, tx *sql.Tx, it domain.Item) error {
	if strings.TrimSpace(it.ID) == "" {
		return errors.New("item id required")
	}
	_, err := r.q(tx).ExecContext(ctx, `INSERT INTO items(`+itemColumns+`) VALUES (?,?,?,?,?,?,?,?,?,?,?,?)`,
		it.ID, it.AccountID, it.Name, it.Category, nullableInt(it.PriceCents), nullableInt(it.PurchasePriceCents),
		nullableStr(it.ScopeID), nullableStr(it.ActiveTransactionID), nullableStr(it.LatestTransactionID),
		marshalRefs(it.Images), it.CreatedAt, it.UpdatedAt)
	return err
}

func (r Repo) GetItem(ctx context.Context, tx *sql.Tx, id string) (domain.Item, error) {
	return scanItem(r.q(tx).QueryRowContext(ctx, `SELECT `+itemColumns+` FROM items WHERE id=?`, id))
}

type ItemFilter struct {
	AccountID string
	ScopeID   string
	PoolOnly  bool
}

func (r Repo) ListItems(ctx context.Context, f ItemFilter) ([]domain.Item, error) {
	query := `SELECT ` + itemColumns + ` FROM items WHERE account_id=?`
	args := []any{f.AccountID}
	switch {
	case f.PoolOnly:
		query += ` AND scope_id IS NULL`
	case f.ScopeID != "":
		query += ` AND scope_id=?`
		args = append(args, f.ScopeID)
	}
	query += ` ORDER BY created_at, id`
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Item
	for rows.Next() {
		it, err := scanItem(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, it)
	}
	return res, rows.Err()
}

// Placement is the movable part of an item.
type Placement struct {
	ScopeID             *string
	ActiveTransactionID *string
	LatestTransactionID *string
}

func (r Repo) UpdateItemPlacement(ctx context.Context, tx *sql.Tx, id string, p Placement, updatedAt string) error {
	res, err := r.q(tx).ExecContext(ctx, `UPDATE items SET scope_id=?, active_transaction_id=?, latest_transaction_id=?, updated_at=? WHERE id=?`,
		nullableStr(p.ScopeID), nullableStr(p.ActiveTransactionID), nullableStr(p.LatestTransactionID), updatedAt, id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// UpdateItemPrices changes valuation only; aggregates are not touched.
func (r Repo) UpdateItemPrices(ctx context.Context, tx *sql.Tx, id string, price, purchase *int64, updatedAt string) error {
	res, err := r.q(tx).ExecContext(ctx, `UPDATE items SET price_cents=?, purchase_price_cents=?, updated_at=? WHERE id=?`,
		nullableInt(price), nullableInt(purchase), updatedAt, id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func (r Repo) UpdateItemImages(ctx context.Context, tx *sql.Tx, id string, images []domain.AttachmentRef, updatedAt string) error {
	_, err := r.q(tx).ExecContext(ctx, `UPDATE items SET images_json=?, updated_at=? WHERE id=?`, marshalRefs(images), updatedAt, id)
	return err
}

func (r Repo) DeleteItem(ctx context.Context, tx *sql.Tx, id string) error {
	_, err := r.q(tx).ExecContext(ctx, `DELETE FROM items WHERE id=?`, id)
	return err
}

// MemberValue is the valuation input for one item.
type MemberValue struct {
	ItemID             string
	PriceCents         *int64
	PurchasePriceCents *int64
}

// LinkItem records that itemID points at transactionID.
func (r Repo) LinkItem(ctx context.Context, tx *sql.Tx, accountID, transactionID, itemID, linkedAt string) error {
	_, err := r.q(tx).ExecContext(ctx, `INSERT INTO transaction_items(account_id,transaction_id,item_id,linked_at) VALUES (?,?,?,?) ON CONFLICT(account_id,transaction_id,item_id) DO NOTHING`,
		accountID, transactionID, itemID, linkedAt)
	return err
}

func (r Repo) UnlinkItem(ctx context.Context, tx *sql.Tx, accountID, transactionID, itemID string) error {
	_, err := r.q(tx).ExecContext(ctx, `DELETE FROM transaction_items WHERE account_id=? AND transaction_id=? AND item_id=?`, accountID, transactionID, itemID)
	return err
}

// ItemLinks lists every transaction the item currently points at.
func (r Repo) ItemLinks(ctx context.Context, tx *sql.Tx, itemID string) ([]string, error) {
	rows, err := r.q(tx).QueryContext(ctx, `SELECT transaction_id FROM transaction_items WHERE item_id=? ORDER BY transaction_id`, itemID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// MemberValues returns valuation inputs for items pointing at transactionID.
func (r Repo) MemberValues(ctx context.Context, tx *sql.Tx, accountID, transactionID string) ([]MemberValue, error) {
	rows, err := r.q(tx).QueryContext(ctx, `SELECT i.id, i.price_cents, i.purchase_price_cents FROM transaction_items m JOIN items i ON i.id=m.item_id WHERE m.account_id=? AND m.transaction_id=? ORDER BY i.id`, accountID, transactionID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanMemberValues(rows)
}

// ItemValues returns valuation inputs for the given item ids; unknown ids are skipped.
func (r Repo) ItemValues(ctx context.Context, tx *sql.Tx, ids []string) ([]MemberValue, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	placeholders := strings.TrimSuffix(strings.Repeat("?,", len(ids)), ",")
	args := make([]any, len(ids))
	for i, id := range ids {
		args[i] = id
	}
	rows, err := r.q(tx).QueryContext(ctx, fmt.Sprintf(`SELECT id, price_cents, purchase_price_cents FROM items WHERE id IN (%s) ORDER BY id`, placeholders), args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanMemberValues(rows)
}

func scanMemberValues(rows *sql.Rows) ([]MemberValue, error) {
	var out []MemberValue
	for rows.Next() {
		var mv MemberValue
		var price, purchase sql.NullInt64
		if err := rows.Scan(&mv.ItemID, &price, &purchase); err != nil {
			return nil, err
		}
		mv.PriceCents = intPtr(price)
		mv.PurchasePriceCents = intPtr(purchase)
		out = append(out, mv)
	}
	return out, rows.Err()
}

package repo

import (
	"context"
	"database/sql"

	"stockline/internal/domain"
)

const edgeColumns = `id,account_id,item_id,from_ref,to_ref,movement_kind,source,COALESCE(note,''),from_scope,to_scope,request_id,COALESCE(created_by,''),created_at`

// InsertEdge appends an edge. An edge whose id already exists is left as is
// and inserted reports false.
func (r Repo) InsertEdge(ctx context.Context, tx *sql.Tx, e domain.Edge) (inserted bool, err error) {
	res, err := r.q(tx).ExecContext(ctx, `INSERT INTO lineage_edges(id,account_id,item_id,from_ref,to_ref,movement_kind,source,note,from_scope,to_scope,request_id,created_by,created_at) VALUES (?,?,?,?,?,?,?,?,?,?,?,?,?) ON CONFLICT(id) DO NOTHING`,
		e.ID, e.AccountID, e.ItemID, nullableStr(e.FromRef), nullableStr(e.ToRef), e.MovementKind, e.Source, nullable(e.Note),
		nullableStr(e.FromScope), nullableStr(e.ToScope), nullableStr(e.RequestID), nullable(e.CreatedBy), e.CreatedAt)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

// ListEdges returns an item's lineage oldest first.
func (r Repo) ListEdges(ctx context.Context, accountID, itemID string) ([]domain.Edge, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT `+edgeColumns+` FROM lineage_edges WHERE account_id=? AND item_id=? ORDER BY created_at, rowid`, accountID, itemID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Edge
	for rows.Next() {
		var e domain.Edge
		var from, to, fromScope, toScope, reqID sql.NullString
		if err := rows.Scan(&e.ID, &e.AccountID, &e.ItemID, &from, &to, &e.MovementKind, &e.Source, &e.Note, &fromScope, &toScope, &reqID, &e.CreatedBy, &e.CreatedAt); err != nil {
			return nil, err
		}
		e.FromRef = strPtr(from)
		e.ToRef = strPtr(to)
		e.FromScope = strPtr(fromScope)
		e.ToScope = strPtr(toScope)
		e.RequestID = strPtr(reqID)
		res = append(res, e)
	}
	return res, rows.Err()
}

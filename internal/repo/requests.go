package repo

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"strings"

	"stockline/internal/domain"
)

const requestColumns = `seq,id,account_id,type,status,op_id,payload_json,COALESCE(created_by,''),created_at,applied_at,deduped,deduped_from,error_code,error_message`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanRequest(row rowScanner) (domain.Request, error) {
	var req domain.Request
	var opID, appliedAt, dedupedFrom, errCode, errMsg sql.NullString
	var payload string
	var deduped int
	err := row.Scan(&req.Seq, &req.ID, &req.AccountID, &req.Type, &req.Status, &opID, &payload,
		&req.CreatedBy, &req.CreatedAt, &appliedAt, &deduped, &dedupedFrom, &errCode, &errMsg)
	if errors.Is(err, sql.ErrNoRows) {
		return req, ErrNotFound
	}
	if err != nil {
		return req, err
	}
	req.OpID = strPtr(opID)
	req.Payload = json.RawMessage(payload)
	req.AppliedAt = strPtr(appliedAt)
	req.Deduped = deduped == 1
	req.DedupedFrom = strPtr(dedupedFrom)
	req.ErrorCode = strPtr(errCode)
	req.ErrorMessage = strPtr(errMsg)
	return req, nil
}

// InsertRequest stores a new envelope. Seq is assigned by the store.
func (r Repo) InsertRequest(ctx context.Context, tx *sql.Tx, req domain.Request) (domain.Request, error) {
	payload := string(req.Payload)
	if strings.TrimSpace(payload) == "" {
		payload = "{}"
	}
	res, err := r.q(tx).ExecContext(ctx, `INSERT INTO requests(id,account_id,type,status,op_id,payload_json,created_by,created_at) VALUES (?,?,?,?,?,?,?,?)`,
		req.ID, req.AccountID, req.Type, req.Status, nullableStr(req.OpID), payload, nullable(req.CreatedBy), req.CreatedAt)
	if err != nil {
		return req, err
	}
	if seq, err := res.LastInsertId(); err == nil {
		req.Seq = seq
	}
	return req, nil
}

func (r Repo) GetRequest(ctx context.Context, tx *sql.Tx, id string) (domain.Request, error) {
	return scanRequest(r.q(tx).QueryRowContext(ctx, `SELECT `+requestColumns+` FROM requests WHERE id=?`, id))
}

type RequestFilter struct {
	AccountID string
	Status    string
	Type      string
	Limit     int
}

func (r Repo) ListRequests(ctx context.Context, f RequestFilter) ([]domain.Request, error) {
	query := `SELECT ` + requestColumns + ` FROM requests WHERE 1=1`
	var args []any
	if f.AccountID != "" {
		query += ` AND account_id=?`
		args = append(args, f.AccountID)
	}
	if f.Status != "" {
		query += ` AND status=?`
		args = append(args, f.Status)
	}
	if f.Type != "" {
		query += ` AND type=?`
		args = append(args, f.Type)
	}
	query += ` ORDER BY seq DESC`
	if f.Limit > 0 {
		query += ` LIMIT ?`
		args = append(args, f.Limit)
	}
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Request
	for rows.Next() {
		req, err := scanRequest(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, req)
	}
	return res, rows.Err()
}

// PendingRequestIDs returns pending envelopes oldest first.
func (r Repo) PendingRequestIDs(ctx context.Context) ([]string, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT id FROM requests WHERE status='pending' ORDER BY seq`)
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

// AppliedDuplicate finds another applied request in the same account with the
// same op id and type, earliest first. A later twin counts too, so a replay
// that overtook the original still leaves the original deduplicated.
func (r Repo) AppliedDuplicate(ctx context.Context, tx *sql.Tx, req domain.Request) (string, bool, error) {
	if req.OpID == nil || *req.OpID == "" {
		return "", false, nil
	}
	var id string
	err := r.q(tx).QueryRowContext(ctx, `SELECT id FROM requests WHERE account_id=? AND type=? AND op_id=? AND status='applied' AND id<>? ORDER BY seq LIMIT 1`,
		req.AccountID, req.Type, *req.OpID, req.ID).Scan(&id)
	if errors.Is(err, sql.ErrNoRows) {
		return "", false, nil
	}
	if err != nil {
		return "", false, err
	}
	return id, true, nil
}

// MarkApplied moves a pending request to applied. dedupedFrom is set when the
// effect was already produced by an earlier request.
func (r Repo) MarkApplied(ctx context.Context, tx *sql.Tx, id, appliedAt string, dedupedFrom *string) error {
	res, err := r.q(tx).ExecContext(ctx, `UPDATE requests SET status='applied', applied_at=?, deduped=?, deduped_from=?, error_code=NULL, error_message=NULL WHERE id=? AND status='pending'`,
		appliedAt, boolInt(dedupedFrom != nil), nullableStr(dedupedFrom), id)
	if err != nil {
		return err
	}
	return expectOne(res)
}

// MarkFailed moves a pending request to failed with a taxonomy code.
func (r Repo) MarkFailed(ctx context.Context, tx *sql.Tx, id, code, message string) error {
	res, err := r.q(tx).ExecContext(ctx, `UPDATE requests SET status='failed', error_code=?, error_message=? WHERE id=? AND status='pending'`,
		code, nullable(message), id)
	if err != nil {
		return err
	}
	return expectOne(res)
}

func expectOne(res sql.Result) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotPending
	}
	return nil
}

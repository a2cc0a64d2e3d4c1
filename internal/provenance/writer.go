package provenance

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"stockline/internal/domain"
	"stockline/internal/repo"
)

// Hop suffixes distinguish the two edges of a scope-to-scope move.
const (
	Hop1 = "_hop1"
	Hop2 = "_hop2"
)

var edgeNamespace = uuid.MustParse("9c1f4b7e-3d2a-5e8f-a6b1-7c0d2e4f6a81")

// Writer appends lineage edges inside the caller's transaction. Edges are
// never updated; appending an id twice keeps the first row.
type Writer struct {
	Repo repo.Repo
	Now  func() time.Time
}

// EdgeID derives the id of a movement edge so that re-applying the same
// request never produces a second row.
func EdgeID(requestID, itemID, kind, hop string) string {
	return fmt.Sprintf("%s_%s_%s%s", requestID, itemID, kind, hop)
}

func (w Writer) Append(ctx context.Context, tx *sql.Tx, e domain.Edge) (bool, error) {
	if tx == nil {
		return false, errors.New("edge append requires a transaction")
	}
	if e.ID == "" || e.ItemID == "" || e.MovementKind == "" {
		return false, errors.New("edge id, item_id and movement_kind are required")
	}
	if e.Source == "" {
		e.Source = domain.SourceServer
	}
	if e.CreatedAt == "" {
		now := w.Now
		if now == nil {
			now = time.Now
		}
		e.CreatedAt = now().UTC().Format(time.RFC3339Nano)
	}
	return w.Repo.InsertEdge(ctx, tx, e)
}

// Change describes a direct edit of an item's active transaction.
type Change struct {
	AccountID string
	ItemID    string
	Before    *string
	After     *string
	FromScope *string
	ToScope   *string
	Source    string
	ActorID   string
	Note      string
	// ChangeID identifies the edit; repeating a change with the same id
	// appends nothing new.
	ChangeID string
}

// Trigger keeps the lineage complete for writes that bypass the request
// queue.
type Trigger struct {
	Writer Writer
}

// ActiveTransactionChanged appends an association edge when the reference
// changed, plus a returned edge when the destination is a return transaction.
// It returns the edges that were newly appended.
func (t Trigger) ActiveTransactionChanged(ctx context.Context, tx *sql.Tx, c Change) ([]domain.Edge, error) {
	if sameRef(c.Before, c.After) {
		return nil, nil
	}
	changeID := c.ChangeID
	if changeID == "" {
		changeID = uuid.NewString()
	}
	base := uuid.NewSHA1(edgeNamespace, []byte(c.AccountID+"|"+c.ItemID+"|"+deref(c.Before)+"|"+deref(c.After)+"|"+changeID)).String()
	source := c.Source
	if source == "" {
		source = domain.SourceClient
	}
	edge := domain.Edge{
		ID:           base + "_" + domain.MovementAssociation,
		AccountID:    c.AccountID,
		ItemID:       c.ItemID,
		FromRef:      c.Before,
		ToRef:        c.After,
		MovementKind: domain.MovementAssociation,
		Source:       source,
		Note:         c.Note,
		FromScope:    c.FromScope,
		ToScope:      c.ToScope,
		CreatedBy:    c.ActorID,
	}
	var appended []domain.Edge
	ok, err := t.Writer.Append(ctx, tx, edge)
	if err != nil {
		return nil, fmt.Errorf("append association edge: %w", err)
	}
	if ok {
		appended = append(appended, edge)
	}
	if c.After == nil {
		return appended, nil
	}
	dest, err := t.Writer.Repo.GetAggregate(ctx, tx, c.AccountID, *c.After)
	if errors.Is(err, repo.ErrNotFound) {
		return appended, nil
	}
	if err != nil {
		return nil, err
	}
	if !dest.IsReturn {
		return appended, nil
	}
	returned := edge
	returned.ID = base + "_" + domain.MovementReturned
	returned.MovementKind = domain.MovementReturned
	ok, err = t.Writer.Append(ctx, tx, returned)
	if err != nil {
		return nil, fmt.Errorf("append returned edge: %w", err)
	}
	if ok {
		appended = append(appended, returned)
	}
	return appended, nil
}

func sameRef(a, b *string) bool {
	return deref(a) == deref(b)
}

func deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}

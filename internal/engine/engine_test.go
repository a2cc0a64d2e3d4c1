package engine_test

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"testing"
	"time"

	"go.uber.org/zap/zaptest"

	"stockline/internal/db"
	"stockline/internal/domain"
	"stockline/internal/engine"
	"stockline/internal/envelope"
	"stockline/internal/ledger"
	"stockline/internal/migrate"
	"stockline/internal/repo"
)

const account = "acct-1"

type testEnv struct {
	Exec    *engine.Executor
	Feed    *envelope.MemoryFeed
	Enqueue envelope.Service
	Ctx     context.Context
}

func newTestEnv(t *testing.T) testEnv {
	t.Helper()
	dir := t.TempDir()
	conn, err := db.Open(db.Config{Workspace: dir})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	if err := migrate.Migrate(conn); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	feed := envelope.NewMemoryFeed()
	exec := engine.New(conn, feed, zaptest.NewLogger(t))
	exec.Now = func() time.Time { return time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC) }
	return testEnv{
		Exec:    exec,
		Feed:    feed,
		Enqueue: envelope.Service{Repo: exec.Repo, Feed: feed, Now: exec.Now},
		Ctx:     context.Background(),
	}
}

func cents(v int64) *int64 { return &v }
func str(v string) *string { return &v }

func (env testEnv) item(t *testing.T, id string, purchase int64, scope *string) domain.Item {
	t.Helper()
	it, err := env.Exec.CreateItem(env.Ctx, engine.ItemInput{
		AccountID:          account,
		ID:                 id,
		Name:               "item " + id,
		PurchasePriceCents: cents(purchase),
		ScopeID:            scope,
	})
	if err != nil {
		t.Fatalf("create item: %v", err)
	}
	return it
}

func (env testEnv) submit(t *testing.T, cmd envelope.Command, opID string) domain.Request {
	t.Helper()
	payload, err := envelope.Encode(cmd)
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	return env.submitRaw(t, cmd.RequestType(), payload, opID, "tester")
}

func (env testEnv) submitRaw(t *testing.T, typ string, payload json.RawMessage, opID, createdBy string) domain.Request {
	t.Helper()
	req, err := env.Enqueue.Enqueue(env.Ctx, envelope.EnqueueInput{
		AccountID: account,
		Type:      typ,
		Payload:   payload,
		OpID:      opID,
		CreatedBy: createdBy,
	})
	if err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	return req
}

func (env testEnv) process(t *testing.T, id string) domain.Request {
	t.Helper()
	req, err := env.Exec.Process(env.Ctx, id)
	if err != nil {
		t.Fatalf("process %s: %v", id, err)
	}
	return req
}

func (env testEnv) aggregate(t *testing.T, id string) domain.Aggregate {
	t.Helper()
	agg, err := env.Exec.Repo.GetAggregate(env.Ctx, nil, account, id)
	if err != nil {
		t.Fatalf("get aggregate %s: %v", id, err)
	}
	return agg
}

func (env testEnv) edges(t *testing.T, itemID string) []domain.Edge {
	t.Helper()
	edges, err := env.Exec.Repo.ListEdges(env.Ctx, account, itemID)
	if err != nil {
		t.Fatalf("list edges: %v", err)
	}
	return edges
}

func expectCode(t *testing.T, req domain.Request, code string) {
	t.Helper()
	if req.Status != domain.RequestFailed {
		t.Fatalf("expected failed request, got %s", req.Status)
	}
	if req.ErrorCode == nil || *req.ErrorCode != code {
		t.Fatalf("expected code %s, got %v (%v)", code, req.ErrorCode, req.ErrorMessage)
	}
}

func allocate(env testEnv, t *testing.T, itemID, scope string) domain.Request {
	t.Helper()
	req := env.submit(t, envelope.PoolToScope{
		Item:     itemID,
		ScopeID:  scope,
		Category: "tools",
		Expected: envelope.Expected{},
	}, "")
	req = env.process(t, req.ID)
	if req.Status != domain.RequestApplied {
		t.Fatalf("allocate: %s %v", req.Status, req.ErrorMessage)
	}
	return req
}

func TestPoolToScopeRecordsPurchase(t *testing.T) {
	env := newTestEnv(t)
	env.item(t, "I", 500, nil)
	allocate(env, t, "I", "P")

	purchaseID := ledger.AggregateID(domain.DirectionPurchase, str("P"), "tools")
	agg := env.aggregate(t, purchaseID)
	if agg.AmountCents != 500 || len(agg.ItemIDs) != 1 || agg.ItemIDs[0] != "I" {
		t.Fatalf("unexpected aggregate %+v", agg)
	}
	if !agg.IsCanonical || agg.Direction != domain.DirectionPurchase {
		t.Fatalf("aggregate base fields wrong: %+v", agg)
	}
	it, err := env.Exec.GetItem(env.Ctx, account, "I")
	if err != nil {
		t.Fatal(err)
	}
	if it.ScopeID == nil || *it.ScopeID != "P" {
		t.Fatalf("item scope %v", it.ScopeID)
	}
	if it.ActiveTransactionID == nil || *it.ActiveTransactionID != purchaseID {
		t.Fatalf("item active %v", it.ActiveTransactionID)
	}
	edges := env.edges(t, "I")
	if len(edges) != 1 {
		t.Fatalf("expected one edge, got %d", len(edges))
	}
	e := edges[0]
	if e.FromRef != nil || e.ToRef == nil || *e.ToRef != purchaseID || e.MovementKind != domain.MovementSold {
		t.Fatalf("unexpected edge %+v", e)
	}
	if e.Source != domain.SourceServer || e.RequestID == nil {
		t.Fatalf("edge provenance missing: %+v", e)
	}
}

func TestScopeToPoolCancelsOpenAllocation(t *testing.T) {
	env := newTestEnv(t)
	env.item(t, "I", 500, nil)
	allocate(env, t, "I", "P")
	purchaseID := ledger.AggregateID(domain.DirectionPurchase, str("P"), "tools")

	req := env.submit(t, envelope.ScopeToPool{
		Item:     "I",
		ScopeID:  "P",
		Category: "tools",
		Expected: envelope.Expected{Scope: str("P"), TransactionRef: str(purchaseID)},
	}, "")
	if req = env.process(t, req.ID); req.Status != domain.RequestApplied {
		t.Fatalf("reversal not applied: %v", req.ErrorMessage)
	}
	agg := env.aggregate(t, purchaseID)
	if agg.AmountCents != 0 || len(agg.ItemIDs) != 0 {
		t.Fatalf("aggregate not emptied: %+v", agg)
	}
	it, _ := env.Exec.GetItem(env.Ctx, account, "I")
	if it.ScopeID != nil || it.ActiveTransactionID != nil {
		t.Fatalf("item not back in pool: %+v", it)
	}
	saleID := ledger.AggregateID(domain.DirectionSale, str("P"), "tools")
	if _, err := env.Exec.Repo.GetAggregate(env.Ctx, nil, account, saleID); !errors.Is(err, repo.ErrNotFound) {
		t.Fatalf("reversal must not record a sale, got %v", err)
	}
	edges := env.edges(t, "I")
	if len(edges) != 2 || edges[1].MovementKind != domain.MovementReversed {
		t.Fatalf("unexpected edges %+v", edges)
	}
}

func TestScopeToPoolSellsUnallocatedItem(t *testing.T) {
	env := newTestEnv(t)
	env.item(t, "I", 250, str("P"))
	req := env.submit(t, envelope.ScopeToPool{
		Item:     "I",
		ScopeID:  "P",
		Expected: envelope.Expected{Scope: str("P")},
	}, "")
	if req = env.process(t, req.ID); req.Status != domain.RequestApplied {
		t.Fatalf("not applied: %v", req.ErrorMessage)
	}
	saleID := ledger.AggregateID(domain.DirectionSale, str("P"), ledger.DefaultCategory)
	if agg := env.aggregate(t, saleID); agg.AmountCents != 250 {
		t.Fatalf("sale amount %d", agg.AmountCents)
	}
	it, _ := env.Exec.GetItem(env.Ctx, account, "I")
	if it.ScopeID != nil || it.ActiveTransactionID == nil || *it.ActiveTransactionID != saleID {
		t.Fatalf("unexpected item %+v", it)
	}
}

func TestStalePreconditionLeavesAggregatesAlone(t *testing.T) {
	env := newTestEnv(t)
	env.item(t, "I", 500, str("P2"))
	req := env.submit(t, envelope.ScopeToPool{
		Item:     "I",
		ScopeID:  "P1",
		Category: "tools",
		Expected: envelope.Expected{Scope: str("P1")},
	}, "")
	req = env.process(t, req.ID)
	expectCode(t, req, engine.CodeFailedPrecondition)

	aggs, err := env.Exec.Repo.ListAggregates(env.Ctx, repo.AggregateFilter{AccountID: account})
	if err != nil {
		t.Fatal(err)
	}
	if len(aggs) != 0 {
		t.Fatalf("aggregates touched: %+v", aggs)
	}
	if edges := env.edges(t, "I"); len(edges) != 0 {
		t.Fatalf("edges written on failure: %+v", edges)
	}
}

func TestOpIDReplayIsDeduplicated(t *testing.T) {
	env := newTestEnv(t)
	env.item(t, "I", 500, nil)
	cmd := envelope.PoolToScope{Item: "I", ScopeID: "P", Category: "tools"}
	first := env.submit(t, cmd, "op-1")
	second := env.submit(t, cmd, "op-1")

	if got := env.process(t, first.ID); got.Status != domain.RequestApplied {
		t.Fatalf("first: %v", got.ErrorMessage)
	}
	got := env.process(t, second.ID)
	if got.Status != domain.RequestApplied || !got.Deduped {
		t.Fatalf("second not deduplicated: %+v", got)
	}
	if got.DedupedFrom == nil || *got.DedupedFrom != first.ID {
		t.Fatalf("deduped_from %v", got.DedupedFrom)
	}
	agg := env.aggregate(t, ledger.AggregateID(domain.DirectionPurchase, str("P"), "tools"))
	if agg.AmountCents != 500 {
		t.Fatalf("double applied: %d", agg.AmountCents)
	}
	if edges := env.edges(t, "I"); len(edges) != 1 {
		t.Fatalf("expected 1 edge, got %d", len(edges))
	}
}

func TestOpIDDedupIsPerType(t *testing.T) {
	env := newTestEnv(t)
	env.item(t, "I", 500, nil)
	first := env.submit(t, envelope.PoolToScope{Item: "I", ScopeID: "P", Category: "tools"}, "op-x")
	if got := env.process(t, first.ID); got.Status != domain.RequestApplied {
		t.Fatalf("first: %v", got.ErrorMessage)
	}
	purchaseID := ledger.AggregateID(domain.DirectionPurchase, str("P"), "tools")

	// same op id on another type is unrelated
	req := env.submit(t, envelope.ScopeToPool{
		Item:     "I",
		ScopeID:  "P",
		Category: "tools",
		Expected: envelope.Expected{Scope: str("P"), TransactionRef: str(purchaseID)},
	}, "op-x")
	if got := env.process(t, req.ID); got.Status != domain.RequestApplied || got.Deduped {
		t.Fatalf("unexpected %+v", got)
	}
	if agg := env.aggregate(t, purchaseID); agg.AmountCents != 0 {
		t.Fatalf("second request did not run: %+v", agg)
	}
}

func TestRedeliveryAppendsEdgesOnce(t *testing.T) {
	env := newTestEnv(t)
	env.item(t, "I", 500, str("P1"))
	req := env.submit(t, envelope.ScopeToScope{
		Item:        "I",
		FromScopeID: "P1",
		ToScopeID:   "P2",
		Category:    "tools",
		Expected:    envelope.Expected{Scope: str("P1")},
	}, "")
	for i := 0; i < 5; i++ {
		env.process(t, req.ID)
	}
	edges := env.edges(t, "I")
	if len(edges) != 2 {
		t.Fatalf("expected 2 edges, got %d", len(edges))
	}
	for i, suffix := range []string{"_hop1", "_hop2"} {
		want := fmt.Sprintf("%s_I_sold%s", req.ID, suffix)
		if edges[i].ID != want {
			t.Fatalf("edge %d id %s, want %s", i, edges[i].ID, want)
		}
	}
}

func TestScopeToScopeRecordsBothHops(t *testing.T) {
	env := newTestEnv(t)
	env.item(t, "I", 500, str("P1"))
	req := env.submit(t, envelope.ScopeToScope{
		Item:        "I",
		FromScopeID: "P1",
		ToScopeID:   "P2",
		Category:    "tools",
		Expected:    envelope.Expected{Scope: str("P1")},
	}, "")
	if got := env.process(t, req.ID); got.Status != domain.RequestApplied {
		t.Fatalf("not applied: %v", got.ErrorMessage)
	}
	saleID := ledger.AggregateID(domain.DirectionSale, str("P1"), "tools")
	destID := ledger.AggregateID(domain.DirectionPurchase, str("P2"), "tools")
	if agg := env.aggregate(t, saleID); agg.AmountCents != 500 {
		t.Fatalf("sale %d", agg.AmountCents)
	}
	if agg := env.aggregate(t, destID); agg.AmountCents != 500 {
		t.Fatalf("purchase %d", agg.AmountCents)
	}
	it, _ := env.Exec.GetItem(env.Ctx, account, "I")
	if *it.ScopeID != "P2" || *it.ActiveTransactionID != destID || *it.LatestTransactionID != destID {
		t.Fatalf("unexpected item %+v", it)
	}
	edges := env.edges(t, "I")
	if *edges[0].ToRef != saleID || *edges[1].FromRef != saleID || *edges[1].ToRef != destID {
		t.Fatalf("hop edges not chained: %+v", edges)
	}
}

func TestScopeToScopeCancelsOriginAllocation(t *testing.T) {
	env := newTestEnv(t)
	env.item(t, "I", 500, nil)
	allocate(env, t, "I", "P1")
	originID := ledger.AggregateID(domain.DirectionPurchase, str("P1"), "tools")
	req := env.submit(t, envelope.ScopeToScope{
		Item:        "I",
		FromScopeID: "P1",
		ToScopeID:   "P2",
		Category:    "tools",
		Expected:    envelope.Expected{Scope: str("P1"), TransactionRef: str(originID)},
	}, "")
	if got := env.process(t, req.ID); got.Status != domain.RequestApplied {
		t.Fatalf("not applied: %v", got.ErrorMessage)
	}
	if agg := env.aggregate(t, originID); agg.AmountCents != 0 || len(agg.ItemIDs) != 0 {
		t.Fatalf("origin not emptied: %+v", agg)
	}
	edges := env.edges(t, "I")
	if len(edges) != 3 || edges[1].MovementKind != domain.MovementReversed || edges[2].MovementKind != domain.MovementSold {
		t.Fatalf("unexpected edges %+v", edges)
	}
}

func TestMissingIdentityIsUnauthenticated(t *testing.T) {
	env := newTestEnv(t)
	env.item(t, "I", 500, nil)
	payload, _ := envelope.Encode(envelope.PoolToScope{Item: "I", ScopeID: "P"})
	req := env.submitRaw(t, envelope.TypePoolToScope, payload, "", "")
	expectCode(t, env.process(t, req.ID), engine.CodeUnauthenticated)
}

func TestMalformedPayloadIsInvalidArgument(t *testing.T) {
	env := newTestEnv(t)
	req := env.submitRaw(t, envelope.TypePoolToScope, json.RawMessage(`{"item_id":"I"}`), "", "tester")
	expectCode(t, env.process(t, req.ID), engine.CodeInvalidArgument)
}

func TestUnknownItemIsNotFound(t *testing.T) {
	env := newTestEnv(t)
	req := env.submit(t, envelope.PoolToScope{Item: "ghost", ScopeID: "P"}, "")
	expectCode(t, env.process(t, req.ID), engine.CodeNotFound)
}

func TestUnknownTypeIsUnimplemented(t *testing.T) {
	env := newTestEnv(t)
	req := env.submitRaw(t, "item.teleport", json.RawMessage(`{}`), "", "tester")
	expectCode(t, env.process(t, req.ID), engine.CodeUnimplemented)
}

func TestUnregisteredHandlerIsUnimplemented(t *testing.T) {
	env := newTestEnv(t)
	env.item(t, "I", 500, nil)
	reg := engine.NewRegistry()
	engine.Register[envelope.ScopeToPool](reg, env.Exec.Movements().ScopeToPool)
	env.Exec.Registry = reg
	req := env.submit(t, envelope.PoolToScope{Item: "I", ScopeID: "P"}, "")
	expectCode(t, env.process(t, req.ID), engine.CodeUnimplemented)
}

func TestHandlerErrorRollsBackWrites(t *testing.T) {
	env := newTestEnv(t)
	env.item(t, "I", 500, nil)
	m := env.Exec.Movements()
	reg := engine.NewRegistry()
	engine.Register(reg, engine.Handler[envelope.PoolToScope](func(ctx context.Context, tx *sql.Tx, req domain.Request, cmd envelope.PoolToScope) error {
		if err := m.PoolToScope(ctx, tx, req, cmd); err != nil {
			return err
		}
		return errors.New("boom")
	}))
	env.Exec.Registry = reg
	req := env.submit(t, envelope.PoolToScope{Item: "I", ScopeID: "P", Category: "tools"}, "")
	got := env.process(t, req.ID)
	expectCode(t, got, engine.CodeHandlerError)
	if got.ErrorMessage == nil || *got.ErrorMessage != "boom" {
		t.Fatalf("message %v", got.ErrorMessage)
	}
	it, _ := env.Exec.GetItem(env.Ctx, account, "I")
	if it.ScopeID != nil || it.ActiveTransactionID != nil {
		t.Fatalf("partial write survived: %+v", it)
	}
	if edges := env.edges(t, "I"); len(edges) != 0 {
		t.Fatalf("edges survived: %d", len(edges))
	}
}

func TestHandlerPanicFailsRequest(t *testing.T) {
	env := newTestEnv(t)
	env.item(t, "I", 500, nil)
	m := env.Exec.Movements()
	reg := engine.NewRegistry()
	engine.Register(reg, engine.Handler[envelope.PoolToScope](func(ctx context.Context, tx *sql.Tx, req domain.Request, cmd envelope.PoolToScope) error {
		if err := m.PoolToScope(ctx, tx, req, cmd); err != nil {
			return err
		}
		var seen map[string]bool
		seen[cmd.Item] = true
		return nil
	}))
	env.Exec.Registry = reg
	req := env.submit(t, envelope.PoolToScope{Item: "I", ScopeID: "P", Category: "tools"}, "")
	got := env.process(t, req.ID)
	expectCode(t, got, engine.CodeHandlerError)
	if got.ErrorMessage == nil || !strings.Contains(*got.ErrorMessage, "handler panic") {
		t.Fatalf("message %v", got.ErrorMessage)
	}
	it, _ := env.Exec.GetItem(env.Ctx, account, "I")
	if it.ScopeID != nil || it.ActiveTransactionID != nil {
		t.Fatalf("partial write survived: %+v", it)
	}
	if edges := env.edges(t, "I"); len(edges) != 0 {
		t.Fatalf("edges survived: %d", len(edges))
	}
	aggs, err := env.Exec.Repo.ListAggregates(env.Ctx, repo.AggregateFilter{AccountID: account})
	if err != nil {
		t.Fatal(err)
	}
	if len(aggs) != 0 {
		t.Fatalf("aggregates survived: %+v", aggs)
	}
}

func TestFullAggregateIsResourceExhausted(t *testing.T) {
	env := newTestEnv(t)
	env.Exec.Ledger.MaxItems = 1
	env.Exec.Registry = engine.DefaultRegistry(env.Exec.Movements())
	env.item(t, "A", 500, nil)
	env.item(t, "B", 300, nil)
	allocate(env, t, "A", "P")

	req := env.submit(t, envelope.PoolToScope{Item: "B", ScopeID: "P", Category: "tools"}, "")
	expectCode(t, env.process(t, req.ID), engine.CodeResourceExhausted)

	agg := env.aggregate(t, ledger.AggregateID(domain.DirectionPurchase, str("P"), "tools"))
	if agg.AmountCents != 500 || len(agg.ItemIDs) != 1 || agg.ItemIDs[0] != "A" {
		t.Fatalf("aggregate changed: %+v", agg)
	}
	it, _ := env.Exec.GetItem(env.Ctx, account, "B")
	if it.ScopeID != nil || it.ActiveTransactionID != nil {
		t.Fatalf("item moved: %+v", it)
	}
}

func TestOpIDDedupWhenReplayRunsFirst(t *testing.T) {
	env := newTestEnv(t)
	env.item(t, "I", 500, nil)
	cmd := envelope.PoolToScope{Item: "I", ScopeID: "P", Category: "tools"}
	original := env.submit(t, cmd, "op-1")
	replay := env.submit(t, cmd, "op-1")

	if got := env.process(t, replay.ID); got.Status != domain.RequestApplied || got.Deduped {
		t.Fatalf("replay: %+v", got)
	}
	got := env.process(t, original.ID)
	if got.Status != domain.RequestApplied || !got.Deduped {
		t.Fatalf("original not deduplicated: %+v", got)
	}
	if got.DedupedFrom == nil || *got.DedupedFrom != replay.ID {
		t.Fatalf("deduped_from %v", got.DedupedFrom)
	}
	agg := env.aggregate(t, ledger.AggregateID(domain.DirectionPurchase, str("P"), "tools"))
	if agg.AmountCents != 500 {
		t.Fatalf("double applied: %d", agg.AmountCents)
	}
}

func TestTerminalRequestsAreIgnored(t *testing.T) {
	env := newTestEnv(t)
	env.item(t, "I", 500, nil)
	req := allocate(env, t, "I", "P")
	again := env.process(t, req.ID)
	if again.Status != domain.RequestApplied || *again.AppliedAt != *req.AppliedAt {
		t.Fatalf("terminal request re-run: %+v", again)
	}
}

func TestRunDrainsFeed(t *testing.T) {
	env := newTestEnv(t)
	env.Exec.Options.Workers = 3
	var ids []string
	for i := 0; i < 6; i++ {
		id := fmt.Sprintf("I%d", i)
		env.item(t, id, 100, nil)
		req := env.submit(t, envelope.PoolToScope{Item: id, ScopeID: "P", Category: "tools"}, "")
		ids = append(ids, req.ID)
		// duplicate notification
		env.Feed.Publish(envelope.Notification{RequestID: req.ID, AccountID: account})
	}
	ctx, cancel := context.WithCancel(env.Ctx)
	done := make(chan error, 1)
	go func() { done <- env.Exec.Run(ctx) }()

	deadline := time.Now().Add(10 * time.Second)
	for _, id := range ids {
		for {
			req, err := env.Exec.Repo.GetRequest(env.Ctx, nil, id)
			if err != nil {
				t.Fatal(err)
			}
			if req.Terminal() {
				if req.Status != domain.RequestApplied {
					t.Fatalf("request %s: %v", id, req.ErrorMessage)
				}
				break
			}
			if time.Now().After(deadline) {
				t.Fatalf("request %s still pending", id)
			}
			time.Sleep(10 * time.Millisecond)
		}
	}
	cancel()
	if err := <-done; err != nil {
		t.Fatalf("run: %v", err)
	}
	agg := env.aggregate(t, ledger.AggregateID(domain.DirectionPurchase, str("P"), "tools"))
	if agg.AmountCents != 600 || len(agg.ItemIDs) != 6 {
		t.Fatalf("unexpected aggregate %+v", agg)
	}
}

func TestBackfillRepublishesPending(t *testing.T) {
	env := newTestEnv(t)
	env.item(t, "I", 500, nil)
	svc := env.Enqueue
	svc.Feed = nil
	payload, _ := envelope.Encode(envelope.PoolToScope{Item: "I", ScopeID: "P"})
	if _, err := svc.Enqueue(env.Ctx, envelope.EnqueueInput{AccountID: account, Type: envelope.TypePoolToScope, Payload: payload, CreatedBy: "tester"}); err != nil {
		t.Fatal(err)
	}
	if env.Feed.Len() != 0 {
		t.Fatalf("feed should be empty")
	}
	n, err := env.Exec.Backfill(env.Ctx)
	if err != nil || n != 1 || env.Feed.Len() != 1 {
		t.Fatalf("backfill: n=%d len=%d err=%v", n, env.Feed.Len(), err)
	}
	sum, err := env.Exec.ApplyPending(env.Ctx)
	if err != nil || sum.Applied != 1 {
		t.Fatalf("apply pending: %+v %v", sum, err)
	}
}

func TestLinkItemAppendsAssociationAndReturned(t *testing.T) {
	env := newTestEnv(t)
	env.item(t, "I", 500, str("P"))
	ret, err := env.Exec.CreateTransaction(env.Ctx, engine.TransactionInput{
		AccountID:   account,
		ScopeID:     str("P"),
		Direction:   domain.DirectionSale,
		Category:    "tools",
		AmountCents: 1200,
		IsReturn:    true,
	})
	if err != nil {
		t.Fatal(err)
	}
	it, edges, err := env.Exec.LinkItem(env.Ctx, engine.LinkInput{
		AccountID:     account,
		ItemID:        "I",
		TransactionID: &ret.ID,
		ActorID:       "tester",
		ChangeID:      "chg-1",
	})
	if err != nil {
		t.Fatalf("link: %v", err)
	}
	if *it.ActiveTransactionID != ret.ID {
		t.Fatalf("active %v", it.ActiveTransactionID)
	}
	if len(edges) != 2 || edges[0].MovementKind != domain.MovementAssociation || edges[1].MovementKind != domain.MovementReturned {
		t.Fatalf("unexpected edges %+v", edges)
	}
	agg := env.aggregate(t, ret.ID)
	if agg.AmountCents != 1200 || len(agg.ItemIDs) != 1 {
		t.Fatalf("manual transaction must keep its amount: %+v", agg)
	}

	// same change again appends nothing
	_, edges, err = env.Exec.LinkItem(env.Ctx, engine.LinkInput{AccountID: account, ItemID: "I", TransactionID: &ret.ID, ChangeID: "chg-1"})
	if err != nil || len(edges) != 0 {
		t.Fatalf("relink: %v %d", err, len(edges))
	}
	if got := env.edges(t, "I"); len(got) != 2 {
		t.Fatalf("expected 2 stored edges, got %d", len(got))
	}
}

func TestSetItemPricesRecomputesAggregates(t *testing.T) {
	env := newTestEnv(t)
	env.item(t, "I", 500, nil)
	allocate(env, t, "I", "P")
	if _, err := env.Exec.SetItemPrices(env.Ctx, account, "I", cents(900), cents(500)); err != nil {
		t.Fatal(err)
	}
	agg := env.aggregate(t, ledger.AggregateID(domain.DirectionPurchase, str("P"), "tools"))
	if agg.AmountCents != 900 {
		t.Fatalf("amount %d, want price to win", agg.AmountCents)
	}
}

func TestCodeOf(t *testing.T) {
	cases := []struct {
		err  error
		code string
	}{
		{engine.FailedPrecondition("x"), engine.CodeFailedPrecondition},
		{fmt.Errorf("wrap: %w", repo.ErrNotFound), engine.CodeNotFound},
		{fmt.Errorf("wrap: %w", ledger.ErrAggregateFull), engine.CodeResourceExhausted},
		{&envelope.PayloadError{Type: "t", Err: errors.New("bad")}, engine.CodeInvalidArgument},
		{envelope.ErrUnknownType, engine.CodeUnimplemented},
		{errors.New("other"), engine.CodeHandlerError},
	}
	for _, c := range cases {
		if got := engine.CodeOf(c.err); got != c.code {
			t.Fatalf("CodeOf(%v)=%s want %s", c.err, got, c.code)
		}
	}
}

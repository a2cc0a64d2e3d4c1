package envelope_test

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"stockline/internal/db"
	"stockline/internal/domain"
	"stockline/internal/envelope"
	"stockline/internal/migrate"
	"stockline/internal/repo"
)

func TestDecodeReturnsTypedCommand(t *testing.T) {
	cmd, err := envelope.Decode(envelope.TypeScopeToScope, json.RawMessage(`{
		"item_id": "I",
		"from_scope_id": "P1",
		"to_scope_id": "P2",
		"category": "tools",
		"expected": {"scope": "P1", "transaction_ref": null}
	}`))
	require.NoError(t, err)
	move, ok := cmd.(envelope.ScopeToScope)
	require.True(t, ok, "got %T", cmd)
	assert.Equal(t, "I", move.ItemID())
	assert.Equal(t, "P2", move.ToScopeID)
	require.NotNil(t, move.Expected.Scope)
	assert.Equal(t, "P1", *move.Expected.Scope)
	assert.Nil(t, move.Expected.TransactionRef)
}

func TestDecodeRejectsBadPayloads(t *testing.T) {
	cases := map[string]struct {
		typ     string
		payload string
	}{
		"missing expected":  {envelope.TypePoolToScope, `{"item_id":"I","scope_id":"P"}`},
		"partial expected":  {envelope.TypePoolToScope, `{"item_id":"I","scope_id":"P","expected":{"scope":null}}`},
		"unknown field":     {envelope.TypeScopeToPool, `{"item_id":"I","scope_id":"P","expected":{"scope":"P","transaction_ref":null},"extra":1}`},
		"wrong type":        {envelope.TypeScopeToPool, `{"item_id":7,"scope_id":"P","expected":{"scope":"P","transaction_ref":null}}`},
		"empty item":        {envelope.TypeScopeToPool, `{"item_id":"","scope_id":"P","expected":{"scope":"P","transaction_ref":null}}`},
		"not json":          {envelope.TypeScopeToPool, `{`},
		"same scope twice":  {envelope.TypeScopeToScope, `{"item_id":"I","from_scope_id":"P","to_scope_id":"P","expected":{"scope":"P","transaction_ref":null}}`},
		"empty payload obj": {envelope.TypeScopeToScope, `{}`},
	}
	for name, c := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := envelope.Decode(c.typ, json.RawMessage(c.payload))
			var pe *envelope.PayloadError
			require.True(t, errors.As(err, &pe), "got %v", err)
			assert.Equal(t, c.typ, pe.Type)
		})
	}
}

func TestDecodeUnknownType(t *testing.T) {
	_, err := envelope.Decode("item.teleport", json.RawMessage(`{}`))
	assert.ErrorIs(t, err, envelope.ErrUnknownType)
}

func TestEncodeRoundTripsThroughSchema(t *testing.T) {
	for _, cmd := range []envelope.Command{
		envelope.ScopeToPool{Item: "I", ScopeID: "P", Note: "returned unused"},
		envelope.PoolToScope{Item: "I", ScopeID: "P", Category: "tools"},
		envelope.ScopeToScope{Item: "I", FromScopeID: "A", ToScopeID: "B"},
	} {
		payload, err := envelope.Encode(cmd)
		require.NoError(t, err)
		require.NoError(t, envelope.Validate(cmd.RequestType(), payload), string(payload))
	}
}

func TestMemoryFeedDeliversInOrder(t *testing.T) {
	f := envelope.NewMemoryFeed()
	for _, id := range []string{"a", "b", "c"} {
		require.True(t, f.Publish(envelope.Notification{RequestID: id}))
	}
	assert.False(t, f.Publish(envelope.Notification{}))
	ctx := context.Background()
	for _, want := range []string{"a", "b", "c"} {
		n, err := f.Next(ctx)
		require.NoError(t, err)
		assert.Equal(t, want, n.RequestID)
	}
	assert.Equal(t, 0, f.Len())
}

func TestMemoryFeedNextBlocksUntilPublish(t *testing.T) {
	f := envelope.NewMemoryFeed()
	got := make(chan string, 1)
	go func() {
		n, err := f.Next(context.Background())
		if err == nil {
			got <- n.RequestID
		}
	}()
	time.Sleep(20 * time.Millisecond)
	f.Publish(envelope.Notification{RequestID: "late"})
	select {
	case id := <-got:
		assert.Equal(t, "late", id)
	case <-time.After(5 * time.Second):
		t.Fatal("Next did not wake up")
	}
}

func TestMemoryFeedContextAndClose(t *testing.T) {
	var f envelope.Feed = envelope.NewMemoryFeed()
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	_, err := f.Next(ctx)
	assert.ErrorIs(t, err, context.DeadlineExceeded)

	f.Publish(envelope.Notification{RequestID: "queued"})
	f.Close()
	assert.False(t, f.Publish(envelope.Notification{RequestID: "after"}))
	n, err := f.Next(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "queued", n.RequestID)
	_, err = f.Next(context.Background())
	assert.ErrorIs(t, err, envelope.ErrFeedClosed)
}

func TestMemoryFeedManyConsumers(t *testing.T) {
	f := envelope.NewMemoryFeed()
	const total = 200
	var mu sync.Mutex
	seen := map[string]int{}
	var wg sync.WaitGroup
	for w := 0; w < 4; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				n, err := f.Next(context.Background())
				if err != nil {
					return
				}
				mu.Lock()
				seen[n.RequestID]++
				mu.Unlock()
			}
		}()
	}
	for i := 0; i < total; i++ {
		f.Publish(envelope.Notification{RequestID: fmt.Sprintf("r%d", i)})
	}
	deadline := time.Now().Add(5 * time.Second)
	for f.Len() > 0 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	f.Close()
	wg.Wait()
	assert.Len(t, seen, total)
}

func TestEnqueueStoresPendingAndNotifies(t *testing.T) {
	conn, err := db.Open(db.Config{Workspace: t.TempDir()})
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	require.NoError(t, migrate.Migrate(conn))
	feed := envelope.NewMemoryFeed()
	svc := envelope.Service{Repo: repo.Repo{DB: conn}, Feed: feed}

	req, err := svc.Enqueue(context.Background(), envelope.EnqueueInput{
		AccountID: "acct",
		Type:      envelope.TypePoolToScope,
		Payload:   json.RawMessage(`{"item_id":"I","scope_id":"P","expected":{"scope":null,"transaction_ref":null}}`),
		OpID:      "op-1",
		CreatedBy: "alice",
	})
	require.NoError(t, err)
	assert.Equal(t, domain.RequestPending, req.Status)
	require.NotNil(t, req.OpID)
	assert.Equal(t, "op-1", *req.OpID)

	n, err := feed.Next(context.Background())
	require.NoError(t, err)
	assert.Equal(t, req.ID, n.RequestID)
	assert.Equal(t, "acct", n.AccountID)

	stored, err := svc.Repo.GetRequest(context.Background(), nil, req.ID)
	require.NoError(t, err)
	assert.Equal(t, "alice", stored.CreatedBy)
	assert.JSONEq(t, string(req.Payload), string(stored.Payload))

	_, err = svc.Enqueue(context.Background(), envelope.EnqueueInput{AccountID: "acct", Type: envelope.TypePoolToScope, Payload: json.RawMessage(`{nope`)})
	assert.Error(t, err)
	_, err = svc.Enqueue(context.Background(), envelope.EnqueueInput{Type: envelope.TypePoolToScope})
	assert.Error(t, err)
}

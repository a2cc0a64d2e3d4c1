package app_test

import (
	"context"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"stockline/internal/app"
	"stockline/internal/config"
	"stockline/internal/domain"
	"stockline/internal/engine"
	"stockline/internal/envelope"
	"stockline/internal/media"
)

const account = "acct"

func openRuntime(t *testing.T, workspace string) *app.Runtime {
	t.Helper()
	rt, err := app.Open(context.Background(), app.Options{
		Workspace: workspace,
		Config:    config.Default(),
		Logger:    zaptest.NewLogger(t),
	})
	require.NoError(t, err)
	return rt
}

func cents(v int64) *int64 { return &v }

func TestUploadCompletionRewritesItemImages(t *testing.T) {
	ctx := context.Background()
	rt := openRuntime(t, t.TempDir())
	t.Cleanup(func() { rt.Close() })

	saved, err := rt.Media.Save(media.SaveInput{
		Reader:     strings.NewReader("png bytes"),
		MimeType:   "image/png",
		OwnerScope: "P1",
	})
	require.NoError(t, err)
	_, err = rt.Executor.CreateItem(ctx, engine.ItemInput{
		AccountID: account,
		ID:        "I1",
		Name:      "drill",
		Images:    []domain.AttachmentRef{{URL: saved.Ref, Kind: "image", MimeType: "image/png"}},
	})
	require.NoError(t, err)

	_, err = rt.Uploads.Enqueue(saved.MediaID, media.EnqueueOptions{})
	require.NoError(t, err)
	assert.Equal(t, 1, rt.Sync.Status().PendingUploads)

	res, err := rt.Uploads.ProcessQueue(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, res.Completed)

	it, err := rt.Executor.GetItem(ctx, account, "I1")
	require.NoError(t, err)
	require.Len(t, it.Images, 1)
	assert.True(t, strings.HasPrefix(it.Images[0].URL, "file://"), it.Images[0].URL)
	assert.True(t, strings.HasSuffix(it.Images[0].URL, "/P1/"+saved.MediaID+".png"), it.Images[0].URL)
	assert.Equal(t, 0, rt.Sync.Status().PendingUploads)
}

func TestManualSyncUntracksAppliedRequests(t *testing.T) {
	ctx := context.Background()
	rt := openRuntime(t, t.TempDir())
	t.Cleanup(func() { rt.Close() })

	_, err := rt.Executor.CreateItem(ctx, engine.ItemInput{AccountID: account, ID: "I1", Name: "saw", PurchasePriceCents: cents(1200)})
	require.NoError(t, err)
	payload, err := envelope.Encode(envelope.PoolToScope{Item: "I1", ScopeID: "P1"})
	require.NoError(t, err)
	req, err := rt.Requests.Enqueue(ctx, envelope.EnqueueInput{
		AccountID: account,
		Type:      envelope.TypePoolToScope,
		Payload:   payload,
		CreatedBy: "alice",
	})
	require.NoError(t, err)
	require.NoError(t, rt.Sync.Track(req))
	assert.Equal(t, 1, rt.Sync.Status().PendingRequests)

	sum, err := rt.Executor.ApplyPending(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, sum.Applied)

	result, err := rt.Sync.TriggerManualSync(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, result.Status.PendingRequests)
	assert.Empty(t, rt.Tracker.List())
}

func TestCloseKeepsClientState(t *testing.T) {
	workspace := t.TempDir()
	rt := openRuntime(t, workspace)
	saved, err := rt.Media.Save(media.SaveInput{Reader: strings.NewReader("receipt"), MimeType: "application/pdf"})
	require.NoError(t, err)
	require.NoError(t, rt.Sync.Track(domain.Request{ID: "r1", AccountID: account, Type: envelope.TypeScopeToPool, Status: domain.RequestPending}))
	require.NoError(t, rt.Close())

	again := openRuntime(t, workspace)
	t.Cleanup(func() { again.Close() })
	rec, err := again.Media.Get(saved.MediaID)
	require.NoError(t, err)
	assert.Equal(t, domain.AttachmentLocalOnly, rec.Status)
	tracked := again.Tracker.List()
	require.Len(t, tracked, 1)
	assert.Equal(t, "r1", tracked[0].RequestID)
}

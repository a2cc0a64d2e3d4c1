package media_test

import (
	"context"
	"errors"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"stockline/internal/domain"
	"stockline/internal/media"
)

func openStore(t *testing.T, dir string) *media.Store {
	t.Helper()
	s, err := media.Open(media.Options{
		CacheDir:  filepath.Join(dir, "cache"),
		StateFile: filepath.Join(dir, "state.json"),
		Logger:    zaptest.NewLogger(t),
		Now:       func() time.Time { return time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC) },
	})
	require.NoError(t, err)
	return s
}

func saveText(t *testing.T, s *media.Store, body string) media.Saved {
	t.Helper()
	saved, err := s.Save(media.SaveInput{Reader: strings.NewReader(body), MimeType: "image/jpeg", OwnerScope: "P1"})
	require.NoError(t, err)
	return saved
}

type recorder struct {
	mu        sync.Mutex
	completed []domain.Attachment
	failed    []error
}

func (r *recorder) UploadCompleted(_ context.Context, _ domain.UploadJob, rec domain.Attachment) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.completed = append(r.completed, rec)
}

func (r *recorder) UploadFailed(_ context.Context, _ domain.UploadJob, err error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.failed = append(r.failed, err)
}

func TestSaveCachesContentAndResolves(t *testing.T) {
	s := openStore(t, t.TempDir())
	saved := saveText(t, s, "jpeg bytes")

	assert.True(t, media.IsLocalRef(saved.Ref))
	id, ok := media.ParseRef(saved.Ref)
	require.True(t, ok)
	assert.Equal(t, saved.MediaID, id)

	rec, err := s.Get(saved.MediaID)
	require.NoError(t, err)
	assert.Equal(t, domain.AttachmentLocalOnly, rec.Status)
	assert.True(t, rec.Cached)
	assert.EqualValues(t, len("jpeg bytes"), rec.SizeBytes)

	path, ok := s.ResolveURI(saved.Ref)
	require.True(t, ok)
	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, "jpeg bytes", string(data))

	remote, ok := s.ResolveURI("https://cdn.example.com/a.jpg")
	assert.True(t, ok)
	assert.Equal(t, "https://cdn.example.com/a.jpg", remote)

	_, ok = s.ResolveURI(media.Ref("missing"))
	assert.False(t, ok)
}

func TestSaveKeepOriginalDoesNotCopy(t *testing.T) {
	dir := t.TempDir()
	s := openStore(t, dir)
	src := filepath.Join(dir, "receipt.png")
	require.NoError(t, os.WriteFile(src, []byte("png"), 0o644))

	saved, err := s.Save(media.SaveInput{Path: src, KeepOriginal: true})
	require.NoError(t, err)
	rec, err := s.Get(saved.MediaID)
	require.NoError(t, err)
	assert.False(t, rec.Cached)
	assert.Equal(t, "image/png", rec.MimeType)

	require.NoError(t, s.Delete(saved.Ref))
	_, err = os.Stat(src)
	assert.NoError(t, err, "original must survive delete")
}

func TestRestoreReadsPersistedState(t *testing.T) {
	dir := t.TempDir()
	s := openStore(t, dir)
	saved := saveText(t, s, "x")
	q := media.NewUploadQueue(s)
	job, err := q.Enqueue(saved.MediaID, media.EnqueueOptions{})
	require.NoError(t, err)

	again := openStore(t, dir)
	rec, err := again.Get(saved.MediaID)
	require.NoError(t, err)
	assert.Equal(t, domain.AttachmentLocalOnly, rec.Status)
	jobs := media.NewUploadQueue(again).Jobs()
	require.Len(t, jobs, 1)
	assert.Equal(t, job.ID, jobs[0].ID)
	assert.Equal(t, "upload:"+saved.MediaID+":P1/"+saved.MediaID+".jpg", jobs[0].IdempotencyKey)
}

func TestDeleteCascadesToJobs(t *testing.T) {
	s := openStore(t, t.TempDir())
	saved := saveText(t, s, "x")
	q := media.NewUploadQueue(s)
	_, err := q.Enqueue(saved.MediaID, media.EnqueueOptions{})
	require.NoError(t, err)
	path, _ := s.ResolveURI(saved.Ref)

	require.NoError(t, s.Delete(saved.Ref))
	assert.Empty(t, q.Jobs())
	_, err = os.Stat(path)
	assert.True(t, errors.Is(err, os.ErrNotExist))
	assert.ErrorIs(t, s.Delete(saved.Ref), media.ErrNotFound)
	assert.ErrorIs(t, s.Delete("https://elsewhere/x"), media.ErrNotLocalRef)
}

func TestSweepOrphansKeepsLiveReferences(t *testing.T) {
	s := openStore(t, t.TempDir())
	keep := saveText(t, s, "keep")
	drop := saveText(t, s, "drop")
	q := media.NewUploadQueue(s)
	_, err := q.Enqueue(drop.MediaID, media.EnqueueOptions{})
	require.NoError(t, err)

	res, err := s.SweepOrphans([]string{keep.Ref})
	require.NoError(t, err)
	assert.Equal(t, media.SweepResult{Records: 1, Jobs: 1}, res)
	_, err = s.Get(keep.MediaID)
	assert.NoError(t, err)
	_, err = s.Get(drop.MediaID)
	assert.ErrorIs(t, err, media.ErrNotFound)
}

func TestEnqueueIsIdempotent(t *testing.T) {
	s := openStore(t, t.TempDir())
	saved := saveText(t, s, "x")
	q := media.NewUploadQueue(s)

	first, err := q.Enqueue(saved.MediaID, media.EnqueueOptions{})
	require.NoError(t, err)
	second, err := q.Enqueue(saved.MediaID, media.EnqueueOptions{})
	require.NoError(t, err)
	assert.Equal(t, first.ID, second.ID)
	assert.Len(t, q.Jobs(), 1)

	other, err := q.Enqueue(saved.MediaID, media.EnqueueOptions{DestinationPath: "elsewhere/x.jpg"})
	require.NoError(t, err)
	assert.NotEqual(t, first.ID, other.ID)
	assert.Equal(t, media.Counts{Queued: 2}, q.Counts())

	_, err = q.Enqueue("nope", media.EnqueueOptions{})
	assert.ErrorIs(t, err, media.ErrNotFound)
}

func TestUploadRetrySucceedsOnSecondPass(t *testing.T) {
	dir := t.TempDir()
	s := openStore(t, dir)
	saved := saveText(t, s, "x")
	q := media.NewUploadQueue(s)
	rec := &recorder{}
	cancel := q.Subscribe(rec)
	defer cancel()

	calls := 0
	require.NoError(t, q.RegisterUploadHandler(media.UploadFunc(func(_ context.Context, req media.UploadRequest) (string, error) {
		calls++
		if calls == 1 {
			return "", errors.New("connection reset")
		}
		return "https://cdn.example.com/" + req.DestinationPath, nil
	})))
	assert.ErrorIs(t, q.RegisterUploadHandler(media.UploadFunc(nil)), media.ErrUploaderRegistered)

	_, err := q.Enqueue(saved.MediaID, media.EnqueueOptions{})
	require.NoError(t, err)

	res, err := q.ProcessQueue(context.Background())
	require.NoError(t, err)
	assert.Equal(t, media.ProcessResult{Attempted: 1, Failed: 1}, res)
	job := q.Jobs()[0]
	assert.Equal(t, domain.JobFailed, job.Status)
	assert.Equal(t, 1, job.AttemptCount)
	assert.Contains(t, job.LastError, "connection reset")
	got, err := s.Get(saved.MediaID)
	require.NoError(t, err)
	assert.Equal(t, domain.AttachmentFailed, got.Status)
	require.Len(t, rec.failed, 1)
	var upErr *media.UploadError
	require.True(t, errors.As(rec.failed[0], &upErr))
	assert.False(t, upErr.Permanent)

	res, err = q.ProcessQueue(context.Background())
	require.NoError(t, err)
	assert.Equal(t, media.ProcessResult{Attempted: 1, Completed: 1}, res)
	job = q.Jobs()[0]
	assert.Equal(t, domain.JobCompleted, job.Status)
	assert.Equal(t, 1, job.AttemptCount)
	got, err = s.Get(saved.MediaID)
	require.NoError(t, err)
	assert.Equal(t, domain.AttachmentUploaded, got.Status)
	assert.Equal(t, "https://cdn.example.com/P1/"+saved.MediaID+".jpg", got.RemoteURL)
	require.Len(t, rec.completed, 1)

	res, err = q.ProcessQueue(context.Background())
	require.NoError(t, err)
	assert.Zero(t, res.Attempted)

	again, err := q.Enqueue(saved.MediaID, media.EnqueueOptions{})
	require.NoError(t, err)
	assert.Equal(t, domain.JobCompleted, again.Status)
}

func TestMissingRecordFailsPermanently(t *testing.T) {
	dir := t.TempDir()
	state := `{"records":{},"jobs":{"j1":{"id":"j1","seq":1,"media_id":"gone","idempotency_key":"k","status":"queued","destination_path":"P/gone.jpg"}},"next_seq":1}`
	require.NoError(t, os.WriteFile(filepath.Join(dir, "state.json"), []byte(state), 0o644))
	s := openStore(t, dir)
	q := media.NewUploadQueue(s)
	rec := &recorder{}
	q.Subscribe(rec)
	require.NoError(t, q.RegisterUploadHandler(media.UploadFunc(func(context.Context, media.UploadRequest) (string, error) {
		t.Fatal("uploader must not run without a record")
		return "", nil
	})))

	_, err := q.ProcessQueue(context.Background())
	require.NoError(t, err)
	job := q.Jobs()[0]
	assert.Equal(t, domain.JobFailed, job.Status)
	assert.True(t, job.Permanent)
	require.Len(t, rec.failed, 1)
	var upErr *media.UploadError
	require.True(t, errors.As(rec.failed[0], &upErr))
	assert.True(t, upErr.Permanent)

	res, err := q.ProcessQueue(context.Background())
	require.NoError(t, err)
	assert.Zero(t, res.Attempted)
}

func TestProcessQueueWithoutUploader(t *testing.T) {
	q := media.NewUploadQueue(openStore(t, t.TempDir()))
	_, err := q.ProcessQueue(context.Background())
	assert.Error(t, err)
}

func TestDirUploaderCopiesToDestination(t *testing.T) {
	dir := t.TempDir()
	s := openStore(t, dir)
	saved := saveText(t, s, "payload")
	q := media.NewUploadQueue(s)
	require.NoError(t, q.RegisterUploadHandler(media.DirUploader{Root: filepath.Join(dir, "remote"), BaseURL: "https://files.example.com/"}))
	_, err := q.Enqueue(saved.MediaID, media.EnqueueOptions{DestinationPath: "../receipts/r1.jpg"})
	require.NoError(t, err)

	_, err = q.ProcessQueue(context.Background())
	require.NoError(t, err)
	rec, err := s.Get(saved.MediaID)
	require.NoError(t, err)
	assert.Equal(t, "https://files.example.com/receipts/r1.jpg", rec.RemoteURL)
	data, err := os.ReadFile(filepath.Join(dir, "remote", "receipts", "r1.jpg"))
	require.NoError(t, err)
	assert.Equal(t, "payload", string(data))

	require.NoError(t, s.Evict(saved.MediaID))
	resolved, ok := s.ResolveURI(saved.Ref)
	assert.True(t, ok)
	assert.Equal(t, rec.RemoteURL, resolved)
	st := s.ResolveState(saved.Ref)
	assert.Empty(t, st.LocalPath)
	assert.True(t, st.Available)
}

type fakeS3 struct {
	input *s3.PutObjectInput
	body  string
}

func (f *fakeS3) PutObject(_ context.Context, in *s3.PutObjectInput, _ ...func(*s3.Options)) (*s3.PutObjectOutput, error) {
	data, err := io.ReadAll(in.Body)
	if err != nil {
		return nil, err
	}
	f.input, f.body = in, string(data)
	return &s3.PutObjectOutput{}, nil
}

func TestS3UploaderPutsUnderPrefix(t *testing.T) {
	dir := t.TempDir()
	src := filepath.Join(dir, "a.jpg")
	require.NoError(t, os.WriteFile(src, []byte("img"), 0o644))
	fake := &fakeS3{}
	u, err := media.NewS3Uploader(context.Background(), media.S3Config{
		Bucket:        "stock",
		Prefix:        "/attachments/",
		PublicBaseURL: "https://cdn.example.com/",
	}, media.WithClient(fake), media.WithLogger(zaptest.NewLogger(t)))
	require.NoError(t, err)

	url, err := u.Upload(context.Background(), media.UploadRequest{MediaID: "m1", LocalPath: src, MimeType: "image/jpeg", DestinationPath: "P1/m1.jpg"})
	require.NoError(t, err)
	assert.Equal(t, "https://cdn.example.com/attachments/P1/m1.jpg", url)
	require.NotNil(t, fake.input)
	assert.Equal(t, "stock", aws.ToString(fake.input.Bucket))
	assert.Equal(t, "attachments/P1/m1.jpg", aws.ToString(fake.input.Key))
	assert.Equal(t, "image/jpeg", aws.ToString(fake.input.ContentType))
	assert.Equal(t, "img", fake.body)

	_, err = media.NewS3Uploader(context.Background(), media.S3Config{})
	assert.Error(t, err)
}

type fakeDocs struct {
	replaced map[string]string
	live     map[string]bool
}

func (f *fakeDocs) ReplaceAttachmentURL(_ context.Context, oldURL, newURL string) (int, error) {
	if !f.live[oldURL] {
		return 0, nil
	}
	delete(f.live, oldURL)
	f.replaced[oldURL] = newURL
	return 1, nil
}

func (f *fakeDocs) AttachmentURLs(context.Context, string) (map[string]bool, error) {
	out := map[string]bool{}
	for k := range f.live {
		out[k] = true
	}
	return out, nil
}

func TestReferenceReconcilerRewritesAfterUpload(t *testing.T) {
	s := openStore(t, t.TempDir())
	uploaded := saveText(t, s, "a")
	pending := saveText(t, s, "b")
	docs := &fakeDocs{replaced: map[string]string{}, live: map[string]bool{uploaded.Ref: true, pending.Ref: true}}
	rc := &media.ReferenceReconciler{Docs: docs, Store: s, Logger: zaptest.NewLogger(t)}

	q := media.NewUploadQueue(s)
	q.Subscribe(rc)
	require.NoError(t, q.RegisterUploadHandler(media.UploadFunc(func(_ context.Context, req media.UploadRequest) (string, error) {
		return "https://cdn.example.com/" + req.MediaID, nil
	})))
	_, err := q.Enqueue(uploaded.MediaID, media.EnqueueOptions{})
	require.NoError(t, err)
	_, err = q.ProcessQueue(context.Background())
	require.NoError(t, err)

	assert.Equal(t, "https://cdn.example.com/"+uploaded.MediaID, docs.replaced[uploaded.Ref])
	n, err := rc.ReplayAll(context.Background())
	require.NoError(t, err)
	assert.Zero(t, n)

	res, err := rc.SweepUnreferenced(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, res.Records)
	_, err = s.Get(pending.MediaID)
	assert.NoError(t, err)
}

package media

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"sort"
	"sync"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"stockline/internal/domain"
)

var ErrUploaderRegistered = errors.New("upload handler already registered")

// UploadRequest is what an Uploader receives for one job.
type UploadRequest struct {
	JobID           string
	MediaID         string
	LocalPath       string
	MimeType        string
	OwnerScope      string
	DestinationPath string
	IdempotencyKey  string
}

// Uploader moves one attachment to remote storage and returns its URL.
type Uploader interface {
	Upload(ctx context.Context, req UploadRequest) (string, error)
}

// UploadFunc adapts a function to Uploader.
type UploadFunc func(ctx context.Context, req UploadRequest) (string, error)

func (f UploadFunc) Upload(ctx context.Context, req UploadRequest) (string, error) {
	return f(ctx, req)
}

// Listener observes upload outcomes. Calls happen outside the queue lock.
type Listener interface {
	UploadCompleted(ctx context.Context, job domain.UploadJob, rec domain.Attachment)
	UploadFailed(ctx context.Context, job domain.UploadJob, err error)
}

// UploadError is reported to listeners for a failed attempt.
type UploadError struct {
	JobID     string
	MediaID   string
	Permanent bool
	Err       error
}

func (e *UploadError) Error() string {
	kind := "upload"
	if e.Permanent {
		kind = "permanent upload"
	}
	return fmt.Sprintf("%s failure for media %s (job %s): %v", kind, e.MediaID, e.JobID, e.Err)
}

func (e *UploadError) Unwrap() error { return e.Err }

// EnqueueOptions tunes a single Enqueue call.
type EnqueueOptions struct {
	DestinationPath string
	IdempotencyKey  string
}

// Counts summarizes the job table.
type Counts struct {
	Queued    int `json:"queued"`
	Uploading int `json:"uploading"`
	Failed    int `json:"failed"`
	Completed int `json:"completed"`
}

// Pending counts jobs still owed an upload.
func (c Counts) Pending() int { return c.Queued + c.Uploading }

// UploadQueue drives jobs through the registered Uploader one at a time.
type UploadQueue struct {
	store *Store

	mu        sync.Mutex
	uploader  Uploader
	listeners map[int]Listener
	nextSub   int

	// serializes ProcessQueue runs
	run sync.Mutex
}

func NewUploadQueue(store *Store) *UploadQueue {
	return &UploadQueue{store: store, listeners: map[int]Listener{}}
}

// RegisterUploadHandler installs the uploader. Only one may be registered.
func (q *UploadQueue) RegisterUploadHandler(u Uploader) error {
	if u == nil {
		return errors.New("nil uploader")
	}
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.uploader != nil {
		return ErrUploaderRegistered
	}
	q.uploader = u
	return nil
}

// Subscribe adds a listener and returns the function that removes it.
func (q *UploadQueue) Subscribe(l Listener) func() {
	q.mu.Lock()
	id := q.nextSub
	q.nextSub++
	q.listeners[id] = l
	q.mu.Unlock()
	return func() {
		q.mu.Lock()
		delete(q.listeners, id)
		q.mu.Unlock()
	}
}

func (q *UploadQueue) snapshotListeners() []Listener {
	q.mu.Lock()
	defer q.mu.Unlock()
	ids := make([]int, 0, len(q.listeners))
	for id := range q.listeners {
		ids = append(ids, id)
	}
	sort.Ints(ids)
	out := make([]Listener, 0, len(ids))
	for _, id := range ids {
		out = append(out, q.listeners[id])
	}
	return out
}

// Enqueue schedules an upload for a saved attachment. Calls with the same
// idempotency key return the existing job; a failed one is re-queued.
func (q *UploadQueue) Enqueue(mediaID string, opts EnqueueOptions) (domain.UploadJob, error) {
	s := q.store
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.records[mediaID]
	if !ok {
		return domain.UploadJob{}, ErrNotFound
	}
	dest := opts.DestinationPath
	if dest == "" {
		dest = defaultDestination(rec)
	}
	key := opts.IdempotencyKey
	if key == "" {
		key = "upload:" + mediaID + ":" + dest
	}
	now := s.timestamp()
	for id, job := range s.jobs {
		if job.IdempotencyKey != key {
			continue
		}
		switch job.Status {
		case domain.JobFailed:
			job.Status = domain.JobQueued
			job.Permanent = false
			job.UpdatedAt = now
			s.jobs[id] = job
			rec.Status = domain.AttachmentLocalOnly
			rec.UpdatedAt = now
			s.records[mediaID] = rec
			return job, s.persistLocked()
		default:
			return job, nil
		}
	}
	s.nextSeq++
	job := domain.UploadJob{
		ID:              uuid.NewString(),
		Seq:             s.nextSeq,
		MediaID:         mediaID,
		IdempotencyKey:  key,
		Status:          domain.JobQueued,
		DestinationPath: dest,
		CreatedAt:       now,
		UpdatedAt:       now,
	}
	s.jobs[job.ID] = job
	rec.Status = domain.AttachmentLocalOnly
	rec.UpdatedAt = now
	s.records[mediaID] = rec
	if err := s.persistLocked(); err != nil {
		return domain.UploadJob{}, err
	}
	s.logger.Debug("upload queued", zap.String("job_id", job.ID), zap.String("media_id", mediaID), zap.String("destination", dest))
	return job, nil
}

func defaultDestination(rec domain.Attachment) string {
	ext := filepath.Ext(rec.LocalURI)
	if ext == "" {
		ext = extensionFor("", rec.MimeType)
	}
	owner := rec.OwnerScope
	if owner == "" {
		owner = "unscoped"
	}
	return owner + "/" + rec.ID + ext
}

// Jobs returns all jobs in enqueue order.
func (q *UploadQueue) Jobs() []domain.UploadJob {
	s := q.store
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]domain.UploadJob, 0, len(s.jobs))
	for _, job := range s.jobs {
		out = append(out, job)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Seq < out[j].Seq })
	return out
}

func (q *UploadQueue) Counts() Counts {
	var c Counts
	for _, job := range q.Jobs() {
		switch job.Status {
		case domain.JobQueued:
			c.Queued++
		case domain.JobUploading:
			c.Uploading++
		case domain.JobFailed:
			c.Failed++
		case domain.JobCompleted:
			c.Completed++
		}
	}
	return c
}

// ProcessResult counts what one ProcessQueue pass did.
type ProcessResult struct {
	Attempted int `json:"attempted"`
	Completed int `json:"completed"`
	Failed    int `json:"failed"`
}

type outcome struct {
	job domain.UploadJob
	rec domain.Attachment
	err error
}

// ProcessQueue attempts every queued or retryable failed job in enqueue
// order. Concurrent calls run one after another. Failures are recorded on
// the job and reported to listeners, not returned; the error result is for
// a missing uploader, a cancelled context or a state file that cannot be
// written.
func (q *UploadQueue) ProcessQueue(ctx context.Context) (ProcessResult, error) {
	q.run.Lock()
	defer q.run.Unlock()

	q.mu.Lock()
	uploader := q.uploader
	q.mu.Unlock()
	if uploader == nil {
		return ProcessResult{}, errors.New("no upload handler registered")
	}

	var res ProcessResult
	for _, job := range q.Jobs() {
		if job.Status != domain.JobQueued && !(job.Status == domain.JobFailed && !job.Permanent) {
			continue
		}
		if err := ctx.Err(); err != nil {
			return res, err
		}
		res.Attempted++
		out, err := q.attempt(ctx, uploader, job.ID)
		if err != nil {
			return res, err
		}
		if out == nil {
			continue
		}
		listeners := q.snapshotListeners()
		if out.err != nil {
			res.Failed++
			for _, l := range listeners {
				l.UploadFailed(ctx, out.job, out.err)
			}
			continue
		}
		res.Completed++
		for _, l := range listeners {
			l.UploadCompleted(ctx, out.job, out.rec)
		}
	}
	return res, nil
}

func (q *UploadQueue) attempt(ctx context.Context, uploader Uploader, jobID string) (*outcome, error) {
	s := q.store
	s.mu.Lock()
	job, ok := s.jobs[jobID]
	if !ok {
		// deleted since the pass started
		s.mu.Unlock()
		return nil, nil
	}
	rec, found := s.records[job.MediaID]
	now := s.timestamp()
	if !found || rec.LocalURI == "" {
		reason := errors.New("attachment record missing")
		if found {
			reason = errors.New("no local copy to upload")
		}
		job.Status = domain.JobFailed
		job.Permanent = true
		job.AttemptCount++
		job.LastError = reason.Error()
		job.UpdatedAt = now
		s.jobs[jobID] = job
		if found {
			rec.Status = domain.AttachmentFailed
			rec.UpdatedAt = now
			s.records[rec.ID] = rec
		}
		err := s.persistLocked()
		s.mu.Unlock()
		if err != nil {
			return nil, err
		}
		return &outcome{job: job, err: &UploadError{JobID: jobID, MediaID: job.MediaID, Permanent: true, Err: reason}}, nil
	}
	job.Status = domain.JobUploading
	job.UpdatedAt = now
	s.jobs[jobID] = job
	rec.Status = domain.AttachmentUploading
	rec.UpdatedAt = now
	s.records[rec.ID] = rec
	if err := s.persistLocked(); err != nil {
		s.mu.Unlock()
		return nil, err
	}
	s.mu.Unlock()

	url, upErr := uploader.Upload(ctx, UploadRequest{
		JobID:           jobID,
		MediaID:         rec.ID,
		LocalPath:       rec.LocalURI,
		MimeType:        rec.MimeType,
		OwnerScope:      rec.OwnerScope,
		DestinationPath: job.DestinationPath,
		IdempotencyKey:  job.IdempotencyKey,
	})
	if upErr == nil && url == "" {
		upErr = errors.New("uploader returned no url")
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	now = s.timestamp()
	job, ok = s.jobs[jobID]
	if !ok {
		return nil, nil
	}
	rec, found = s.records[job.MediaID]
	if upErr != nil {
		job.Status = domain.JobFailed
		job.AttemptCount++
		job.LastError = upErr.Error()
		job.UpdatedAt = now
		s.jobs[jobID] = job
		if found {
			rec.Status = domain.AttachmentFailed
			rec.UpdatedAt = now
			s.records[rec.ID] = rec
		}
		s.logger.Warn("upload failed", zap.String("job_id", jobID), zap.String("media_id", job.MediaID), zap.Int("attempt", job.AttemptCount), zap.Error(upErr))
		if err := s.persistLocked(); err != nil {
			return nil, err
		}
		return &outcome{job: job, rec: rec, err: &UploadError{JobID: jobID, MediaID: job.MediaID, Err: upErr}}, nil
	}
	job.Status = domain.JobCompleted
	job.RemoteURL = url
	job.LastError = ""
	job.UpdatedAt = now
	s.jobs[jobID] = job
	if found {
		rec.Status = domain.AttachmentUploaded
		rec.RemoteURL = url
		rec.UpdatedAt = now
		s.records[rec.ID] = rec
	}
	s.logger.Info("upload completed", zap.String("job_id", jobID), zap.String("media_id", job.MediaID), zap.String("remote_url", url))
	if err := s.persistLocked(); err != nil {
		return nil, err
	}
	return &outcome{job: job, rec: rec}, nil
}

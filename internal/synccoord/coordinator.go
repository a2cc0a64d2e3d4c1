package synccoord

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"

	"go.uber.org/zap"

	"stockline/internal/domain"
	"stockline/internal/media"
)

// Status is the read model presentation layers render.
type Status struct {
	PendingRequests int    `json:"pending_requests"`
	FailedRequests  int    `json:"failed_requests"`
	PendingUploads  int    `json:"pending_uploads"`
	FailedUploads   int    `json:"failed_uploads"`
	Syncing         bool   `json:"syncing"`
	LastError       string `json:"last_error,omitempty"`
	// BackgroundError holds the latest upload failure. It never blocks a
	// sync.
	BackgroundError string `json:"background_error,omitempty"`
}

// Coordinator owns the sync status. Uploads is optional.
type Coordinator struct {
	Tracker *Tracker
	Source  StatusSource
	Uploads *media.UploadQueue
	// Resubscribe reopens live domain data before a manual sync.
	Resubscribe func(ctx context.Context) error
	Logger      *zap.Logger

	mu         sync.Mutex
	syncing    bool
	lastErr    string
	background string
	subs       map[int]func(Status)
	nextSub    int
}

func (c *Coordinator) log() *zap.Logger {
	if c.Logger == nil {
		return zap.NewNop()
	}
	return c.Logger
}

// Status computes the current snapshot.
func (c *Coordinator) Status() Status {
	var st Status
	for _, tr := range c.Tracker.List() {
		switch tr.Status {
		case domain.RequestFailed:
			st.FailedRequests++
		default:
			st.PendingRequests++
		}
	}
	if c.Uploads != nil {
		counts := c.Uploads.Counts()
		st.PendingUploads = counts.Pending()
		st.FailedUploads = counts.Failed
	}
	c.mu.Lock()
	st.Syncing = c.syncing
	st.LastError = c.lastErr
	st.BackgroundError = c.background
	c.mu.Unlock()
	return st
}

// Subscribe registers fn for status changes and returns the function that
// removes it.
func (c *Coordinator) Subscribe(fn func(Status)) func() {
	c.mu.Lock()
	if c.subs == nil {
		c.subs = map[int]func(Status){}
	}
	id := c.nextSub
	c.nextSub++
	c.subs[id] = fn
	c.mu.Unlock()
	return func() {
		c.mu.Lock()
		delete(c.subs, id)
		c.mu.Unlock()
	}
}

func (c *Coordinator) publish() {
	c.mu.Lock()
	ids := make([]int, 0, len(c.subs))
	for id := range c.subs {
		ids = append(ids, id)
	}
	sort.Ints(ids)
	fns := make([]func(Status), 0, len(ids))
	for _, id := range ids {
		fns = append(fns, c.subs[id])
	}
	c.mu.Unlock()
	if len(fns) == 0 {
		return
	}
	st := c.Status()
	for _, fn := range fns {
		fn(st)
	}
}

// Track follows a newly submitted request.
func (c *Coordinator) Track(req domain.Request) error {
	if err := c.Tracker.Track(req); err != nil {
		return err
	}
	c.publish()
	return nil
}

// Dismiss stops following a request, typically a failed one the user has
// acknowledged.
func (c *Coordinator) Dismiss(requestID string) (bool, error) {
	ok, err := c.Tracker.Dismiss(requestID)
	if ok {
		c.publish()
	}
	return ok, err
}

// Refresh re-reads every tracked request. Applied requests are untracked;
// failed ones stay until dismissed. A request the source no longer knows is
// kept as failed.
func (c *Coordinator) Refresh(ctx context.Context) error {
	if c.Source == nil {
		return errors.New("no status source configured")
	}
	var fresh []domain.Request
	var errs []error
	for _, tr := range c.Tracker.List() {
		if tr.Status == domain.RequestFailed {
			continue
		}
		req, err := c.Source.RequestStatus(ctx, tr.AccountID, tr.RequestID)
		if errors.Is(err, ErrRequestGone) {
			code, msg := "not-found", "request no longer exists"
			fresh = append(fresh, domain.Request{ID: tr.RequestID, Status: domain.RequestFailed, ErrorCode: &code, ErrorMessage: &msg})
			continue
		}
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			errs = append(errs, fmt.Errorf("request %s: %w", tr.RequestID, err))
			continue
		}
		fresh = append(fresh, req)
	}
	if err := c.Tracker.update(fresh); err != nil {
		errs = append(errs, err)
	}
	err := errors.Join(errs...)
	c.mu.Lock()
	if err != nil {
		c.lastErr = err.Error()
	} else {
		c.lastErr = ""
	}
	c.mu.Unlock()
	c.publish()
	return err
}

// SyncResult reports what a manual sync did.
type SyncResult struct {
	Status  Status              `json:"status"`
	Uploads media.ProcessResult `json:"uploads"`
}

// TriggerManualSync resubscribes, refreshes tracked requests and drains the
// upload queue. Upload failures land in BackgroundError, not the returned
// error.
func (c *Coordinator) TriggerManualSync(ctx context.Context) (SyncResult, error) {
	c.mu.Lock()
	if c.syncing {
		c.mu.Unlock()
		return SyncResult{Status: c.Status()}, errors.New("sync already in progress")
	}
	c.syncing = true
	c.mu.Unlock()
	c.publish()
	defer func() {
		c.mu.Lock()
		c.syncing = false
		c.mu.Unlock()
		c.publish()
	}()

	var errs []error
	if c.Resubscribe != nil {
		if err := c.Resubscribe(ctx); err != nil {
			errs = append(errs, fmt.Errorf("resubscribe: %w", err))
		}
	}
	if err := c.Refresh(ctx); err != nil {
		errs = append(errs, err)
	}
	var res SyncResult
	if c.Uploads != nil {
		up, err := c.Uploads.ProcessQueue(ctx)
		res.Uploads = up
		if err != nil {
			errs = append(errs, fmt.Errorf("uploads: %w", err))
		}
	}
	err := errors.Join(errs...)
	if err != nil {
		c.mu.Lock()
		c.lastErr = err.Error()
		c.mu.Unlock()
		c.log().Warn("manual sync incomplete", zap.Error(err))
	}
	res.Status = c.Status()
	res.Status.Syncing = false
	return res, err
}

func (c *Coordinator) UploadCompleted(context.Context, domain.UploadJob, domain.Attachment) {
	if c.Uploads != nil && c.Uploads.Counts().Failed == 0 {
		c.mu.Lock()
		c.background = ""
		c.mu.Unlock()
	}
	c.publish()
}

func (c *Coordinator) UploadFailed(_ context.Context, job domain.UploadJob, err error) {
	c.mu.Lock()
	c.background = err.Error()
	c.mu.Unlock()
	c.log().Info("upload failed in background", zap.String("job_id", job.ID), zap.String("media_id", job.MediaID), zap.Error(err))
	c.publish()
}

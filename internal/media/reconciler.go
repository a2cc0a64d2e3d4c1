package media

import (
	"context"
	"errors"

	"go.uber.org/zap"

	"stockline/internal/domain"
)

// ReferenceRewriter rewrites stored attachment references. repo.Repo
// implements it.
type ReferenceRewriter interface {
	ReplaceAttachmentURL(ctx context.Context, oldURL, newURL string) (int, error)
	AttachmentURLs(ctx context.Context, prefix string) (map[string]bool, error)
}

// ReferenceReconciler swaps local references for remote URLs once an
// upload completes.
type ReferenceReconciler struct {
	Docs   ReferenceRewriter
	Store  *Store
	Logger *zap.Logger
}

func (r *ReferenceReconciler) log() *zap.Logger {
	if r.Logger == nil {
		return zap.NewNop()
	}
	return r.Logger
}

func (r *ReferenceReconciler) UploadCompleted(ctx context.Context, job domain.UploadJob, rec domain.Attachment) {
	if _, err := r.rewrite(ctx, rec); err != nil {
		r.log().Warn("attachment references not rewritten", zap.String("media_id", rec.ID), zap.String("job_id", job.ID), zap.Error(err))
	}
}

func (r *ReferenceReconciler) UploadFailed(context.Context, domain.UploadJob, error) {}

func (r *ReferenceReconciler) rewrite(ctx context.Context, rec domain.Attachment) (int, error) {
	if rec.Status != domain.AttachmentUploaded || rec.RemoteURL == "" {
		return 0, nil
	}
	n, err := r.Docs.ReplaceAttachmentURL(ctx, Ref(rec.ID), rec.RemoteURL)
	if err != nil {
		return 0, err
	}
	if n > 0 {
		r.log().Info("attachment references rewritten", zap.String("media_id", rec.ID), zap.Int("count", n))
	}
	return n, nil
}

// ReplayAll rewrites references for every uploaded record. It returns the
// number of references changed.
func (r *ReferenceReconciler) ReplayAll(ctx context.Context) (int, error) {
	if r.Store == nil {
		return 0, errors.New("reconciler has no store")
	}
	total := 0
	var errs []error
	for _, rec := range r.Store.List() {
		n, err := r.rewrite(ctx, rec)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		total += n
	}
	return total, errors.Join(errs...)
}

// SweepUnreferenced drops records no document refers to any more. Records
// already rewritten to a remote URL count as unreferenced.
func (r *ReferenceReconciler) SweepUnreferenced(ctx context.Context) (SweepResult, error) {
	if r.Store == nil {
		return SweepResult{}, errors.New("reconciler has no store")
	}
	refs, err := r.Docs.AttachmentURLs(ctx, Scheme)
	if err != nil {
		return SweepResult{}, err
	}
	live := make([]string, 0, len(refs))
	for ref := range refs {
		live = append(live, ref)
	}
	return r.Store.SweepOrphans(live)
}

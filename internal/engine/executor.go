// Package engine is the trusted executor: it takes pending request envelopes
// off the feed, applies them through the handler registry and records the
// terminal status.
package engine

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"stockline/internal/db"
	"stockline/internal/domain"
	"stockline/internal/envelope"
	"stockline/internal/ledger"
	"stockline/internal/provenance"
	"stockline/internal/repo"
)

type Options struct {
	Workers    int
	ClaimTTL   time.Duration
	TxAttempts int
}

func DefaultOptions() Options {
	return Options{Workers: 4, ClaimTTL: 5 * time.Minute, TxAttempts: 5}
}

type Executor struct {
	Repo     repo.Repo
	Registry *Registry
	Feed     envelope.Feed
	Claims   ClaimStore
	Ledger   ledger.Engine
	Trigger  provenance.Trigger
	Logger   *zap.Logger
	Now      func() time.Time
	Options  Options
}

// New wires an executor over conn with the item movement handlers, in-memory
// claims and default options.
func New(conn *sql.DB, feed envelope.Feed, logger *zap.Logger) *Executor {
	if logger == nil {
		logger = zap.NewNop()
	}
	r := repo.Repo{DB: conn}
	led := ledger.New(r, logger.Named("ledger"))
	writer := provenance.Writer{Repo: r}
	e := &Executor{
		Repo:    r,
		Feed:    feed,
		Claims:  NewMemoryClaims(),
		Ledger:  led,
		Trigger: provenance.Trigger{Writer: writer},
		Logger:  logger,
		Now:     time.Now,
		Options: DefaultOptions(),
	}
	e.Registry = DefaultRegistry(e.Movements())
	return e
}

// Movements returns handlers sharing the executor's stores and clock.
func (e *Executor) Movements() Movements {
	return Movements{
		Repo:    e.Repo,
		Ledger:  e.Ledger,
		Lineage: e.Trigger.Writer,
		Now:     e.Now,
	}
}

func (e *Executor) now() string {
	now := e.Now
	if now == nil {
		now = time.Now
	}
	return now().UTC().Format(time.RFC3339)
}

func (e *Executor) txAttempts() int {
	if e.Options.TxAttempts > 0 {
		return e.Options.TxAttempts
	}
	return 1
}

// Run pulls notifications until ctx ends or the feed closes. Notifications
// are processed concurrently by Options.Workers goroutines.
func (e *Executor) Run(ctx context.Context) error {
	if e.Feed == nil {
		return errors.New("executor has no feed")
	}
	workers := e.Options.Workers
	if workers < 1 {
		workers = 1
	}
	e.Logger.Info("executor started", zap.Int("workers", workers), zap.Strings("handlers", e.Registry.Registered()))
	var wg sync.WaitGroup
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func(worker int) {
			defer wg.Done()
			e.loop(ctx, worker)
		}(i)
	}
	wg.Wait()
	e.Logger.Info("executor stopped")
	if err := ctx.Err(); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	return nil
}

func (e *Executor) loop(ctx context.Context, worker int) {
	for {
		n, err := e.Feed.Next(ctx)
		if err != nil {
			if !errors.Is(err, envelope.ErrFeedClosed) && ctx.Err() == nil {
				e.Logger.Error("feed read failed", zap.Int("worker", worker), zap.Error(err))
			}
			return
		}
		if _, err := e.Process(ctx, n.RequestID); err != nil && ctx.Err() == nil {
			e.Logger.Error("request processing failed",
				zap.Int("worker", worker),
				zap.String("request_id", n.RequestID),
				zap.Error(err))
		}
	}
}

// Backfill announces every pending request on the feed, covering requests
// created while no executor was running.
func (e *Executor) Backfill(ctx context.Context) (int, error) {
	ids, err := e.Repo.PendingRequestIDs(ctx)
	if err != nil {
		return 0, fmt.Errorf("list pending requests: %w", err)
	}
	published := 0
	for _, id := range ids {
		req, err := e.Repo.GetRequest(ctx, nil, id)
		if err != nil {
			return published, err
		}
		if e.Feed.Publish(envelope.Notification{RequestID: id, AccountID: req.AccountID}) {
			published++
		}
	}
	if published > 0 {
		e.Logger.Info("pending requests republished", zap.Int("count", published))
	}
	return published, nil
}

// Summary counts the outcomes of ApplyPending.
type Summary struct {
	Applied int `json:"applied"`
	Failed  int `json:"failed"`
	Skipped int `json:"skipped"`
}

// ApplyPending processes every pending request in creation order on the
// calling goroutine.
func (e *Executor) ApplyPending(ctx context.Context) (Summary, error) {
	ids, err := e.Repo.PendingRequestIDs(ctx)
	if err != nil {
		return Summary{}, fmt.Errorf("list pending requests: %w", err)
	}
	var sum Summary
	for _, id := range ids {
		req, err := e.Process(ctx, id)
		if err != nil {
			return sum, err
		}
		switch req.Status {
		case domain.RequestApplied:
			sum.Applied++
		case domain.RequestFailed:
			sum.Failed++
		default:
			sum.Skipped++
		}
	}
	return sum, nil
}

// Process runs one request to a terminal status and returns it as stored.
// Requests that are no longer pending are returned untouched. Domain failures
// are recorded on the request, not returned; the error result is reserved for
// the store itself failing, in which case the request stays pending.
func (e *Executor) Process(ctx context.Context, requestID string) (domain.Request, error) {
	req, err := e.Repo.GetRequest(ctx, nil, requestID)
	if err != nil {
		return domain.Request{}, fmt.Errorf("load request %s: %w", requestID, err)
	}
	if req.Status != domain.RequestPending {
		e.Logger.Debug("request already terminal", zap.String("request_id", req.ID), zap.String("status", req.Status))
		return req, nil
	}

	claimKey := "request:" + req.ID
	if e.Claims != nil {
		ok, err := e.Claims.Claim(ctx, claimKey, e.Options.ClaimTTL)
		if err != nil {
			e.Logger.Warn("claim store unavailable", zap.String("request_id", req.ID), zap.Error(err))
		} else if !ok {
			return req, nil
		} else {
			defer func() {
				if err := e.Claims.Release(context.WithoutCancel(ctx), claimKey); err != nil {
					e.Logger.Warn("claim release failed", zap.String("request_id", req.ID), zap.Error(err))
				}
			}()
		}
	}

	applyErr := e.apply(ctx, req)
	switch {
	case applyErr == nil, errors.Is(applyErr, repo.ErrNotPending):
		return e.Repo.GetRequest(ctx, nil, req.ID)
	case ctx.Err() != nil:
		return req, ctx.Err()
	case db.IsBusy(applyErr):
		return req, applyErr
	}

	code, message := CodeOf(applyErr), MessageOf(applyErr)
	err = e.Repo.WithTx(ctx, e.txAttempts(), func(tx *sql.Tx) error {
		return e.Repo.MarkFailed(ctx, tx, req.ID, code, message)
	})
	if err != nil && !errors.Is(err, repo.ErrNotPending) {
		return req, fmt.Errorf("record failure of %s: %w", req.ID, err)
	}
	e.Logger.Info("request failed",
		zap.String("request_id", req.ID),
		zap.String("request_type", req.Type),
		zap.String("error_code", code),
		zap.String("error", message))
	return e.Repo.GetRequest(ctx, nil, req.ID)
}

func (e *Executor) apply(ctx context.Context, req domain.Request) error {
	if strings.TrimSpace(req.CreatedBy) == "" {
		return Unauthenticated("request %s has no caller identity", req.ID)
	}
	var dedupedFrom string
	err := e.Repo.WithTx(ctx, e.txAttempts(), func(tx *sql.Tx) error {
		dedupedFrom = ""
		if twin, ok, err := e.Repo.AppliedDuplicate(ctx, tx, req); err != nil {
			return err
		} else if ok {
			dedupedFrom = twin
			return e.Repo.MarkApplied(ctx, tx, req.ID, e.now(), &twin)
		}
		cmd, err := envelope.Decode(req.Type, req.Payload)
		if err != nil {
			return err
		}
		if err := e.Registry.dispatch(ctx, tx, req, cmd); err != nil {
			return err
		}
		return e.Repo.MarkApplied(ctx, tx, req.ID, e.now(), nil)
	})
	if err != nil {
		return err
	}
	fields := []zap.Field{zap.String("request_id", req.ID), zap.String("request_type", req.Type), zap.Stringp("op_id", req.OpID)}
	if dedupedFrom != "" {
		e.Logger.Info("request deduplicated", append(fields, zap.String("deduped_from", dedupedFrom))...)
	} else {
		e.Logger.Info("request applied", fields...)
	}
	return nil
}

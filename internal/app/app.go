// Package app assembles the stores, the executor and the client-side sync
// pieces of one workspace from its stockline.yml.
package app

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"stockline/internal/config"
	"stockline/internal/db"
	"stockline/internal/engine"
	"stockline/internal/envelope"
	"stockline/internal/logging"
	"stockline/internal/media"
	"stockline/internal/migrate"
	"stockline/internal/repo"
	"stockline/internal/synccoord"
	stocklinesdk "stockline/sdk/go"
)

type Options struct {
	Workspace string
	// Config overrides the workspace stockline.yml.
	Config *config.Config
	// Logger overrides the logger built from Config.Logging.
	Logger *zap.Logger
	// APIKey and BearerToken authenticate the remote status source when
	// sync.server_url is set.
	APIKey      string
	BearerToken string
}

// Runtime is a fully wired workspace. Close releases it.
type Runtime struct {
	Workspace  string
	Config     *config.Config
	Logger     *zap.Logger
	DB         *sql.DB
	Repo       repo.Repo
	Feed       *envelope.MemoryFeed
	Executor   *engine.Executor
	Requests   envelope.Service
	Media      *media.Store
	Uploads    *media.UploadQueue
	References *media.ReferenceReconciler
	Tracker    *synccoord.Tracker
	Sync       *synccoord.Coordinator

	closers []func() error
}

// Open loads config, migrates the database and wires every component.
func Open(ctx context.Context, opts Options) (*Runtime, error) {
	cfg := opts.Config
	if cfg == nil {
		loaded, err := config.LoadOptional(opts.Workspace)
		if err != nil {
			return nil, err
		}
		cfg = loaded
	}
	logger := opts.Logger
	if logger == nil {
		l, err := logging.New(cfg.Logging)
		if err != nil {
			return nil, err
		}
		logger = l
	}
	rt := &Runtime{Workspace: opts.Workspace, Config: cfg, Logger: logger}
	if err := rt.open(ctx, opts); err != nil {
		_ = rt.Close()
		return nil, err
	}
	return rt, nil
}

func (rt *Runtime) open(ctx context.Context, opts Options) error {
	cfg := rt.Config
	conn, err := db.Open(db.Config{Workspace: rt.Workspace})
	if err != nil {
		return err
	}
	rt.closers = append(rt.closers, conn.Close)
	if err := migrate.Migrate(conn); err != nil {
		return err
	}
	rt.DB = conn
	rt.Repo = repo.Repo{DB: conn}

	rt.Feed = envelope.NewMemoryFeed()
	rt.Executor = engine.New(conn, rt.Feed, rt.Logger.Named("executor"))
	rt.closers = append(rt.closers, func() error { rt.Executor.Feed.Close(); return nil })
	rt.Executor.Options = engine.Options{
		Workers:    cfg.Executor.Workers,
		ClaimTTL:   cfg.Executor.ClaimTTL,
		TxAttempts: cfg.Executor.MaxTxRetries,
	}
	if cfg.Claims.Backend == "redis" {
		claims, err := engine.NewRedisClaims(ctx, engine.RedisClaimsConfig{
			Addr:      cfg.Claims.Redis.Addr,
			Password:  cfg.Claims.Redis.Password,
			DB:        cfg.Claims.Redis.DB,
			KeyPrefix: cfg.Claims.Redis.KeyPrefix,
		})
		if err != nil {
			return err
		}
		rt.closers = append(rt.closers, claims.Close)
		rt.Executor.Claims = claims
	}
	rt.Requests = envelope.Service{Repo: rt.Repo, Feed: rt.Feed, Logger: rt.Logger.Named("requests")}

	store, err := media.Open(media.Options{
		CacheDir:  config.Resolve(rt.Workspace, cfg.Media.CacheDir),
		StateFile: config.Resolve(rt.Workspace, cfg.Media.StateFile),
		Logger:    rt.Logger.Named("media"),
	})
	if err != nil {
		return fmt.Errorf("open media store: %w", err)
	}
	rt.Media = store
	rt.Uploads = media.NewUploadQueue(store)
	uploader, err := rt.uploader(ctx)
	if err != nil {
		return err
	}
	if err := rt.Uploads.RegisterUploadHandler(uploader); err != nil {
		return err
	}
	rt.References = &media.ReferenceReconciler{Docs: rt.Repo, Store: store, Logger: rt.Logger.Named("references")}
	rt.Uploads.Subscribe(rt.References)

	tracker, err := synccoord.OpenTracker(config.Resolve(rt.Workspace, cfg.Sync.TrackerFile))
	if err != nil {
		return fmt.Errorf("open sync tracker: %w", err)
	}
	rt.Tracker = tracker
	rt.Sync = &synccoord.Coordinator{
		Tracker: tracker,
		Source:  rt.statusSource(opts),
		Uploads: rt.Uploads,
		Resubscribe: func(ctx context.Context) error {
			_, err := rt.Executor.Backfill(ctx)
			return err
		},
		Logger: rt.Logger.Named("sync"),
	}
	rt.Uploads.Subscribe(rt.Sync)
	return nil
}

func (rt *Runtime) uploader(ctx context.Context) (media.Uploader, error) {
	up := rt.Config.Uploads
	switch up.Backend {
	case "s3":
		u, err := media.NewS3Uploader(ctx, media.S3Config{
			Bucket:        up.S3.Bucket,
			Endpoint:      up.S3.Endpoint,
			Region:        up.S3.Region,
			AccessKey:     up.S3.AccessKey,
			SecretKey:     up.S3.SecretKey,
			UsePathStyle:  up.S3.UsePathStyle,
			PublicBaseURL: up.S3.PublicBaseURL,
			Prefix:        up.S3.Prefix,
		}, media.WithLogger(rt.Logger.Named("s3")))
		if err != nil {
			return nil, fmt.Errorf("s3 uploader: %w", err)
		}
		return u, nil
	case "dir", "":
		return media.DirUploader{
			Root:    config.Resolve(rt.Workspace, up.Dir.Root),
			BaseURL: up.Dir.BaseURL,
		}, nil
	default:
		return nil, fmt.Errorf("unknown uploads backend %q", up.Backend)
	}
}

func (rt *Runtime) statusSource(opts Options) synccoord.StatusSource {
	if url := rt.Config.Sync.ServerURL; url != "" {
		client := stocklinesdk.New(url, "")
		client.APIKey = opts.APIKey
		client.BearerToken = opts.BearerToken
		return synccoord.RemoteSource{Client: client}
	}
	return synccoord.RepoSource{Repo: rt.Repo}
}

// Close persists client state and releases connections in reverse order.
func (rt *Runtime) Close() error {
	var errs []error
	if rt.Media != nil {
		errs = append(errs, rt.Media.Persist())
	}
	if rt.Tracker != nil {
		errs = append(errs, rt.Tracker.Persist())
	}
	for i := len(rt.closers) - 1; i >= 0; i-- {
		errs = append(errs, rt.closers[i]())
	}
	rt.closers = nil
	if rt.Logger != nil {
		_ = rt.Logger.Sync()
	}
	return errors.Join(errs...)
}

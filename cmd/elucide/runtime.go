package main

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"elucide/internal/backend"
	"elucide/internal/chat"
	"elucide/internal/completion"
	"elucide/internal/config"
	"elucide/internal/kv"
	"elucide/internal/logging"
	"elucide/internal/msgcache"
	"elucide/internal/threads"
)

const shutdownTimeout = 10 * time.Second

// runtime is the wired client: local cache, backend, completion router and
// the chat environment on top of them.
type runtime struct {
	cfg     config.Config
	log     *zap.Logger
	storage kv.Storage
	store   *msgcache.Store
	client  *backend.Client
	threads *threads.Store
	sweeper *msgcache.Sweeper
	env     *chat.Env
	catalog completion.Catalog
}

func newLogger(cfg config.Config, interactive bool) (*zap.Logger, error) {
	opts := cfg.LogOptions()
	if interactive && opts.File == "" {
		// The TUI owns the terminal.
		dir, err := os.UserCacheDir()
		if err != nil {
			dir = os.TempDir()
		}
		opts.File = filepath.Join(dir, "elucide", "elucide.log")
	}
	if opts.File != "" {
		if err := os.MkdirAll(filepath.Dir(opts.File), 0o755); err != nil {
			return nil, fmt.Errorf("create log dir: %w", err)
		}
	}
	return logging.New(opts)
}

// openStore opens the configured storage and the message cache over it.
func openStore(cfg config.Config, log *zap.Logger) (kv.Storage, *msgcache.Store, error) {
	settings, err := cfg.CacheSettings()
	if err != nil {
		return nil, nil, err
	}
	if settings.Path != "" {
		if err := os.MkdirAll(filepath.Dir(settings.Path), 0o755); err != nil {
			return nil, nil, fmt.Errorf("create cache dir: %w", err)
		}
	}
	storage, err := kv.Open(settings.Driver, settings.Path)
	if err != nil {
		return nil, nil, fmt.Errorf("open cache storage: %w", err)
	}
	store, err := msgcache.NewStore(storage, msgcache.Options{
		Prefix: settings.Prefix,
		TTL:    settings.TTL,
		Logger: log,
	})
	if err != nil {
		_ = storage.Close()
		return nil, nil, err
	}
	log.Debug("cache_opened",
		zap.String("driver", settings.Driver),
		zap.String("path", settings.Path),
		zap.Int("pending", store.Ledger.Len()),
	)
	return storage, store, nil
}

func newRuntime(cfg config.Config, log *zap.Logger) (*runtime, error) {
	timeout, err := cfg.BackendTimeout()
	if err != nil {
		return nil, err
	}
	retry, err := cfg.RetryPolicy()
	if err != nil {
		return nil, err
	}
	client, err := backend.New(backend.Config{
		BaseURL: cfg.Backend.BaseURL,
		Token:   cfg.Backend.Token,
		UserID:  cfg.Backend.UserID,
		Timeout: timeout,
		Retry:   retry,
		Logger:  log.Named("backend"),
	})
	if err != nil {
		return nil, fmt.Errorf("build backend client: %w", err)
	}

	completionOpts, err := cfg.CompletionOptions()
	if err != nil {
		return nil, err
	}
	sweepCfg, err := cfg.SweepConfig()
	if err != nil {
		return nil, err
	}

	storage, store, err := openStore(cfg, log)
	if err != nil {
		return nil, err
	}

	threadStore, err := threads.NewStore(client, threads.Options{Logger: log, Cache: store.Cache})
	if err != nil {
		_ = storage.Close()
		return nil, err
	}
	env, err := chat.NewEnv(chat.Config{
		Store:          store,
		Backend:        client,
		Streamer:       completion.New(completionOpts),
		Recency:        threadStore,
		Logger:         log,
		Model:          cfg.Provider.Model,
		PersistTimeout: timeout,
	})
	if err != nil {
		_ = storage.Close()
		return nil, err
	}
	sweeper := msgcache.NewSweeper(store, client, sweepCfg)
	env.AttachSweeper(sweeper)

	return &runtime{
		cfg:     cfg,
		log:     log,
		storage: storage,
		store:   store,
		client:  client,
		threads: threadStore,
		sweeper: sweeper,
		env:     env,
		catalog: completionOpts.Catalog,
	}, nil
}

// start runs the pending-message sweep and thread sync until ctx ends. The
// returned wait blocks until both loops have stopped.
func (r *runtime) start(ctx context.Context) (wait func() error) {
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return r.sweeper.Run(gctx) })
	g.Go(func() error { return r.threads.Run(gctx, threads.DefaultSyncInterval) })
	return g.Wait
}

// shutdown pushes what it can to the backend and closes storage. Messages
// still pending stay in the ledger for the next run.
func (r *runtime) shutdown() error {
	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	if err := r.sweeper.Flush(ctx); err != nil {
		r.log.Warn("shutdown_flush_incomplete", zap.Int("pending", r.store.Ledger.Len()), zap.Error(err))
	}
	if err := r.threads.SyncPending(ctx); err != nil {
		r.log.Warn("shutdown_thread_sync_failed", zap.Error(err))
	}
	if err := r.storage.Close(); err != nil {
		return fmt.Errorf("close cache storage: %w", err)
	}
	return nil
}

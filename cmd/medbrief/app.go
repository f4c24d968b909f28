package main

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/kalambet/medbrief/internal/briefing"
	"github.com/kalambet/medbrief/internal/config"
	"github.com/kalambet/medbrief/internal/gemini"
	"github.com/kalambet/medbrief/internal/jobs"
	"github.com/kalambet/medbrief/internal/profile"
	"github.com/kalambet/medbrief/internal/ratelimit"
	"github.com/kalambet/medbrief/internal/retry"
	"github.com/kalambet/medbrief/internal/searches"
	"github.com/kalambet/medbrief/internal/storage"
	"github.com/kalambet/medbrief/internal/storage/postgres"
)

// appStore is everything the server needs from a storage driver.
type appStore interface {
	searches.Store
	searches.JobQueue
	profile.ProfileStore
	jobs.JobStore
	Ping(ctx context.Context) error
	Close() error
}

// app holds the wired services shared by serve and mcp.
type app struct {
	cfg      config.Config
	store    appStore
	redis    *redis.Client
	limiter  ratelimit.Limiter
	profiles *profile.Manager
	searches *searches.Service
	worker   *jobs.Worker

	workerDone chan struct{}
}

func setupLogging(cfg config.LogConfig, w io.Writer) {
	level := slog.LevelInfo
	switch strings.ToLower(cfg.Level) {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	}
	opts := &slog.HandlerOptions{Level: level}
	var h slog.Handler = slog.NewTextHandler(w, opts)
	if strings.EqualFold(cfg.Format, "json") {
		h = slog.NewJSONHandler(w, opts)
	}
	slog.SetDefault(slog.New(h))
}

func openStore(ctx context.Context, cfg config.StorageConfig) (appStore, error) {
	if cfg.Driver == "postgres" {
		s, err := postgres.Open(ctx, cfg.PostgresDSN)
		if err != nil {
			return nil, err
		}
		return s, nil
	}
	s, err := storage.Open(cfg.DataDir)
	if err != nil {
		return nil, err
	}
	return s, nil
}

func newLimiter(ctx context.Context, cfg config.Config) (ratelimit.Limiter, *redis.Client, error) {
	if cfg.RateLimit.Backend != "redis" {
		return ratelimit.NewSlidingWindow(cfg.RateLimit.Limit, cfg.RateLimit.Window), nil, nil
	}
	client, err := ratelimit.NewRedisClient(ctx, ratelimit.RedisOptions{
		Addr:     cfg.Redis.Addr,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	})
	if err != nil {
		return nil, nil, err
	}
	return ratelimit.NewRedisLimiter(client, "medbrief:ratelimit:", cfg.RateLimit.Limit, cfg.RateLimit.Window), client, nil
}

func newApp(ctx context.Context, cfg config.Config) (*app, error) {
	store, err := openStore(ctx, cfg.Storage)
	if err != nil {
		return nil, fmt.Errorf("opening storage: %w", err)
	}

	limiter, rdb, err := newLimiter(ctx, cfg)
	if err != nil {
		store.Close()
		return nil, fmt.Errorf("creating rate limiter: %w", err)
	}

	client := gemini.NewClient(cfg.Gemini.APIKey, gemini.Options{
		BaseURL:           cfg.Gemini.BaseURL,
		Model:             cfg.Gemini.Model,
		Timeout:           cfg.Gemini.Timeout,
		RequestsPerSecond: cfg.Gemini.RequestsPerSecond,
	})
	generator := briefing.NewGenerator(client, retry.Policy{
		MaxAttempts: cfg.Generation.MaxAttempts,
		BaseDelay:   cfg.Generation.BaseDelay,
		MaxDelay:    cfg.Generation.MaxDelay,
		Jitter:      cfg.Generation.Jitter,
	})

	profiles := profile.NewManager(store)
	svc, err := searches.New(searches.Deps{
		Store:     store,
		Generator: generator,
		Limiter:   limiter,
		Profiles:  profiles,
		Jobs:      store,
		Mode:      cfg.Generation.Mode,
		Logger:    slog.Default(),
	})
	if err != nil {
		store.Close()
		if rdb != nil {
			rdb.Close()
		}
		return nil, err
	}

	a := &app{
		cfg:      cfg,
		store:    store,
		redis:    rdb,
		limiter:  limiter,
		profiles: profiles,
		searches: svc,
	}
	if cfg.Generation.Mode == searches.ModeAsync {
		a.worker = jobs.NewWorker(store, svc, 500*time.Millisecond, 2)
	}
	return a, nil
}

// run starts the background loops and blocks until ctx is done.
func (a *app) run(ctx context.Context) {
	if sw, ok := a.limiter.(*ratelimit.SlidingWindow); ok {
		go sw.Run(ctx, time.Minute)
	}
	if a.worker != nil {
		a.workerDone = make(chan struct{})
		go func() {
			a.worker.Run(ctx)
			close(a.workerDone)
		}()
	}
}

// drain settles in-flight generation before the store is closed. Sync
// generations still running when ctx ends are marked errored; the worker
// returns interrupted jobs to the queue on its own.
func (a *app) drain(ctx context.Context) {
	if err := a.searches.Drain(ctx); err != nil {
		slog.Warn("in-flight briefings did not finish before shutdown", "error", err)
	}
	if a.workerDone == nil {
		return
	}
	select {
	case <-a.workerDone:
	case <-ctx.Done():
		slog.Warn("job worker did not stop before shutdown")
	}
}

func (a *app) Close() {
	if a.redis != nil {
		if err := a.redis.Close(); err != nil {
			fmt.Fprintf(os.Stderr, "warning: closing redis: %v\n", err)
		}
	}
	if err := a.store.Close(); err != nil {
		fmt.Fprintf(os.Stderr, "warning: closing storage: %v\n", err)
	}
}

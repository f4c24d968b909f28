// Package jobs runs queued briefing generation in the background.
package jobs

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/kalambet/medbrief/internal/searches"
	"github.com/kalambet/medbrief/internal/storage"
)

// JobStore abstracts the job queue operations.
type JobStore interface {
	ClaimNextJob(ctx context.Context, types []string) (*storage.Job, error)
	CompleteJob(ctx context.Context, id string) error
	FailJob(ctx context.Context, id string, errMsg string) error
	ReleaseJob(ctx context.Context, id string) error
	RequeueStaleJobs(ctx context.Context, cutoff time.Time) (int, error)
}

// DefaultStaleAfter is how long a job may stay running before another worker
// assumes its owner died. It exceeds the longest generation retry budget.
const DefaultStaleAfter = 10 * time.Minute

// Generator finalizes one search. Implemented by searches.Service.
type Generator interface {
	Generate(ctx context.Context, searchID string) error
}

// Worker processes generate_briefing jobs from the job queue.
type Worker struct {
	store       JobStore
	generator   Generator
	poll        time.Duration
	concurrency int
	staleAfter  time.Duration
	logger      *slog.Logger
	now         func() time.Time
}

// NewWorker creates a Worker. If pollInterval is <= 0, it defaults to 500ms;
// concurrency below 1 is treated as 1.
func NewWorker(store JobStore, generator Generator, pollInterval time.Duration, concurrency int) *Worker {
	if pollInterval <= 0 {
		pollInterval = 500 * time.Millisecond
	}
	return &Worker{
		store:       store,
		generator:   generator,
		poll:        pollInterval,
		concurrency: max(concurrency, 1),
		staleAfter:  DefaultStaleAfter,
		logger:      slog.Default(),
		now:         time.Now,
	}
}

// WithStaleAfter sets how long a running job is left alone before it is
// requeued.
func (w *Worker) WithStaleAfter(d time.Duration) *Worker {
	if d > 0 {
		w.staleAfter = d
	}
	return w
}

// Run polls for jobs with the configured number of loops until ctx is
// cancelled. Jobs abandoned by a dead worker are requeued on start and then
// periodically. Run returns once every in-flight job has been settled.
func (w *Worker) Run(ctx context.Context) {
	var g errgroup.Group
	g.Go(func() error {
		w.reclaimLoop(ctx)
		return nil
	})
	for i := 0; i < w.concurrency; i++ {
		g.Go(func() error {
			w.loop(ctx)
			return nil
		})
	}
	_ = g.Wait()
}

func (w *Worker) loop(ctx context.Context) {
	for {
		if ctx.Err() != nil {
			return
		}

		done, err := w.RunOnce(ctx)
		if err != nil {
			w.logger.Error("worker iteration failed", "error", err)
		}
		if done {
			continue
		}

		select {
		case <-ctx.Done():
			return
		case <-time.After(w.poll):
		}
	}
}

func (w *Worker) reclaimLoop(ctx context.Context) {
	ticker := time.NewTicker(w.staleAfter / 2)
	defer ticker.Stop()
	for {
		if _, err := w.RequeueStale(ctx); err != nil && ctx.Err() == nil {
			w.logger.Error("requeueing stale jobs failed", "error", err)
		}
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

// RequeueStale returns jobs that have been running longer than the stale
// threshold to the queue.
func (w *Worker) RequeueStale(ctx context.Context) (int, error) {
	n, err := w.store.RequeueStaleJobs(ctx, w.now().Add(-w.staleAfter))
	if err != nil {
		return 0, fmt.Errorf("requeueing stale jobs: %w", err)
	}
	if n > 0 {
		w.logger.Warn("requeued stale jobs", "count", n)
	}
	return n, nil
}

// RunOnce claims and processes a single job. It returns true if a job was
// processed, whether or not it succeeded. If ctx ends during generation the
// job goes back to the queue without counting an attempt.
func (w *Worker) RunOnce(ctx context.Context) (bool, error) {
	job, err := w.store.ClaimNextJob(ctx, []string{searches.JobType})
	if err != nil {
		return false, fmt.Errorf("claiming job: %w", err)
	}
	if job == nil {
		return false, nil
	}

	err = w.processJob(ctx, job)

	// Queue bookkeeping must land even when shutting down.
	ctx = context.WithoutCancel(ctx)
	if errors.Is(err, searches.ErrInterrupted) {
		w.logger.Info("job interrupted, returning to queue", "job_id", job.ID)
		if relErr := w.store.ReleaseJob(ctx, job.ID); relErr != nil {
			return true, fmt.Errorf("releasing job %s: %w", job.ID, relErr)
		}
		return true, nil
	}
	if err != nil {
		w.logger.Warn("job failed", "job_id", job.ID, "attempt", job.Attempts+1, "error", err)
		if failErr := w.store.FailJob(ctx, job.ID, err.Error()); failErr != nil {
			w.logger.Error("failed to mark job as failed", "job_id", job.ID, "error", failErr)
		}
		return true, nil
	}

	if err := w.store.CompleteJob(ctx, job.ID); err != nil {
		return true, fmt.Errorf("completing job %s: %w", job.ID, err)
	}
	return true, nil
}

func (w *Worker) processJob(ctx context.Context, job *storage.Job) error {
	searchID, err := searches.SearchIDFromJob(*job)
	if err != nil {
		return err
	}

	err = w.generator.Generate(ctx, searchID)
	if errors.Is(err, storage.ErrNotFound) {
		w.logger.Info("search removed before generation", "job_id", job.ID, "search_id", searchID)
		return nil
	}
	return err
}

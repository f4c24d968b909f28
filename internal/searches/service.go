// Package searches owns the disease search lifecycle: idempotent creation
// keyed by a per-owner query fingerprint, generation of the briefing, and the
// single pending → ready|errored transition.
package searches

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/kalambet/medbrief/internal/briefing"
	"github.com/kalambet/medbrief/internal/query"
	"github.com/kalambet/medbrief/internal/ratelimit"
	"github.com/kalambet/medbrief/internal/storage"
)

// QueryField names the request field in validation errors.
const QueryField = "diseaseName"

// JobType is the queue job type for background generation.
const JobType = "generate_briefing"

// Generation modes.
const (
	ModeSync  = "sync"
	ModeAsync = "async"
)

const (
	unexpectedFailureMessage  = "Something went wrong while preparing your briefing. Please try again later."
	interruptedFailureMessage = "The service restarted while preparing your briefing. Please search again."
)

// Store is the persistence the service needs. Implemented by storage.Store
// and postgres.Store.
type Store interface {
	CreateSearch(ctx context.Context, s storage.Search) error
	FindSearchByFingerprint(ctx context.Context, ownerID, fingerprint string) (storage.Search, error)
	GetSearch(ctx context.Context, ownerID, id string) (storage.Search, error)
	GetSearchByID(ctx context.Context, id string) (storage.Search, error)
	ListSearches(ctx context.Context, ownerID string, limit, offset int) ([]storage.Search, error)
	CountSearches(ctx context.Context, ownerID string) (int, error)
	CompleteSearch(ctx context.Context, id string, c storage.Completion) error
	FailSearch(ctx context.Context, id string, f storage.Failure) error
	DeleteSearch(ctx context.Context, ownerID, id string) error
}

// Generator produces a briefing for a query.
type Generator interface {
	Generate(ctx context.Context, diseaseName, profileSummary string) (briefing.Result, error)
}

// ProfileSummarizer renders an owner's profile for the prompt.
type ProfileSummarizer interface {
	GetSummary(ctx context.Context, ownerID string) (string, error)
}

// JobQueue accepts background generation jobs.
type JobQueue interface {
	EnqueueJob(ctx context.Context, job storage.Job) error
}

// Deps holds the service collaborators. Profiles and Jobs are optional;
// Jobs is required in async mode.
type Deps struct {
	Store     Store
	Generator Generator
	Limiter   ratelimit.Limiter
	Profiles  ProfileSummarizer
	Jobs      JobQueue
	Mode      string
	Logger    *slog.Logger
}

// Service implements the search operations.
type Service struct {
	store     Store
	generator Generator
	limiter   ratelimit.Limiter
	profiles  ProfileSummarizer
	jobs      JobQueue
	async     bool
	logger    *slog.Logger

	// inflight holds sync generations started by Create, keyed by search id.
	mu       sync.Mutex
	inflight map[string]time.Time

	now   func() time.Time
	newID func() string
}

// New builds a Service from deps.
func New(deps Deps) (*Service, error) {
	if deps.Store == nil || deps.Generator == nil || deps.Limiter == nil {
		return nil, errors.New("searches: store, generator and limiter are required")
	}
	async := deps.Mode == ModeAsync
	if async && deps.Jobs == nil {
		return nil, errors.New("searches: async mode requires a job queue")
	}
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{
		store:     deps.Store,
		generator: deps.Generator,
		limiter:   deps.Limiter,
		profiles:  deps.Profiles,
		jobs:      deps.Jobs,
		async:     async,
		logger:    logger,
		inflight:  make(map[string]time.Time),
		now:       time.Now,
		newID:     uuid.NewString,
	}, nil
}

// CreateResult is the outcome of Create. Reused is true when an existing
// search for the same normalized query was returned.
type CreateResult struct {
	Search storage.Search
	Reused bool
}

// Rate limit scopes. Each scope has its own window per owner.
const (
	ScopeCreate = "create"
	ScopeRead   = "get"
	ScopeDelete = "delete"
)

// RateLimitKey is the limiter key for ownerID in the given scope.
func RateLimitKey(ownerID, scope string) string {
	return ownerID + ":diseases:" + scope
}

func (s *Service) allow(ctx context.Context, ownerID, scope string) error {
	res, err := s.limiter.Allow(ctx, RateLimitKey(ownerID, scope))
	if err != nil {
		return fmt.Errorf("checking rate limit: %w", err)
	}
	if !res.Allowed {
		return &RateLimitError{Limit: res.Limit, RetryAfter: res.RetryAfter}
	}
	return nil
}

// Create validates rawQuery and returns the owner's existing search for the
// same normalized query, or creates one and generates its briefing.
// Generation failures are recorded on the search, not returned.
func (s *Service) Create(ctx context.Context, ownerID, rawQuery string) (CreateResult, error) {
	if ownerID == "" {
		return CreateResult{}, ErrUnauthenticated
	}

	trimmed, err := query.Validate(QueryField, rawQuery)
	if err != nil {
		return CreateResult{}, err
	}

	if err := s.allow(ctx, ownerID, ScopeCreate); err != nil {
		return CreateResult{}, err
	}

	fingerprint := query.Key(ownerID, trimmed)
	existing, err := s.store.FindSearchByFingerprint(ctx, ownerID, fingerprint)
	switch {
	case err == nil:
		return CreateResult{Search: existing, Reused: true}, nil
	case !errors.Is(err, storage.ErrNotFound):
		return CreateResult{}, fmt.Errorf("looking up search: %w", err)
	}

	rec := storage.Search{
		ID:          s.newID(),
		OwnerID:     ownerID,
		Query:       trimmed,
		Fingerprint: fingerprint,
		Status:      storage.StatusPending,
		Payload:     "{}",
		CreatedAt:   s.now().UTC(),
	}
	rec.UpdatedAt = rec.CreatedAt

	if err := s.store.CreateSearch(ctx, rec); err != nil {
		if !errors.Is(err, storage.ErrDuplicate) {
			return CreateResult{}, fmt.Errorf("creating search: %w", err)
		}
		// A concurrent request for the same query won the insert.
		winner, err := s.store.FindSearchByFingerprint(ctx, ownerID, fingerprint)
		if err != nil {
			return CreateResult{}, fmt.Errorf("reading concurrent search: %w", err)
		}
		return CreateResult{Search: winner, Reused: true}, nil
	}
	s.logger.Info("search created", "search_id", rec.ID, "owner", ownerID)

	if s.async {
		if err := s.enqueue(ctx, rec); err != nil {
			return CreateResult{}, err
		}
		return CreateResult{Search: rec}, nil
	}

	// The briefing is finished even if the caller goes away.
	genCtx := context.WithoutCancel(ctx)
	s.track(rec.ID, rec.CreatedAt)
	err = s.Generate(genCtx, rec.ID)
	s.untrack(rec.ID)
	if err != nil {
		s.logger.Error("generation bookkeeping failed", "search_id", rec.ID, "error", err)
	}

	latest, err := s.store.GetSearchByID(genCtx, rec.ID)
	switch {
	case err == nil:
		return CreateResult{Search: latest}, nil
	case errors.Is(err, storage.ErrNotFound):
		// Deleted while the briefing was being generated.
		return CreateResult{}, ErrNotFound
	default:
		s.logger.Warn("re-reading search after generation failed", "search_id", rec.ID, "error", err)
		return CreateResult{Search: rec}, nil
	}
}

func (s *Service) track(id string, createdAt time.Time) {
	s.mu.Lock()
	s.inflight[id] = createdAt
	s.mu.Unlock()
}

func (s *Service) untrack(id string) {
	s.mu.Lock()
	delete(s.inflight, id)
	s.mu.Unlock()
}

func (s *Service) inflightSnapshot() map[string]time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[string]time.Time, len(s.inflight))
	for id, createdAt := range s.inflight {
		out[id] = createdAt
	}
	return out
}

// Drain waits for generations started by Create to finish. If ctx ends first,
// the searches still generating are marked errored so none is left pending
// once the store closes, and ctx.Err() is returned.
func (s *Service) Drain(ctx context.Context) error {
	ticker := time.NewTicker(drainPollInterval)
	defer ticker.Stop()
	for len(s.inflightSnapshot()) > 0 {
		select {
		case <-ctx.Done():
			return s.abandonInflight(ctx)
		case <-ticker.C:
		}
	}
	return nil
}

const drainPollInterval = 50 * time.Millisecond

func (s *Service) abandonInflight(ctx context.Context) error {
	pending := s.inflightSnapshot()
	wctx := context.WithoutCancel(ctx)
	for id, createdAt := range pending {
		err := s.store.FailSearch(wctx, id, storage.Failure{
			Message:    interruptedFailureMessage,
			DurationMs: max(s.now().Sub(createdAt).Milliseconds(), 0),
		})
		if err == nil {
			s.logger.Warn("generation interrupted by shutdown", "search_id", id)
			continue
		}
		if err := s.transition(id, err); err != nil {
			s.logger.Error("failed to record interrupted generation", "search_id", id, "error", err)
		}
	}
	return ctx.Err()
}

type jobPayload struct {
	SearchID string `json:"search_id"`
}

func (s *Service) enqueue(ctx context.Context, rec storage.Search) error {
	payload, err := json.Marshal(jobPayload{SearchID: rec.ID})
	if err != nil {
		return fmt.Errorf("encoding job payload: %w", err)
	}
	err = s.jobs.EnqueueJob(ctx, storage.Job{
		ID:          s.newID(),
		Type:        JobType,
		PayloadJSON: string(payload),
	})
	if err == nil {
		return nil
	}

	// Without a job the record would stay pending forever.
	if delErr := s.store.DeleteSearch(context.WithoutCancel(ctx), rec.OwnerID, rec.ID); delErr != nil {
		s.logger.Error("removing unqueued search failed", "search_id", rec.ID, "error", delErr)
	}
	return fmt.Errorf("enqueueing generation: %w", err)
}

// SearchIDFromJob extracts the search id from a generation job payload.
func SearchIDFromJob(job storage.Job) (string, error) {
	var p jobPayload
	if err := json.Unmarshal([]byte(job.PayloadJSON), &p); err != nil {
		return "", fmt.Errorf("decoding job payload: %w", err)
	}
	if p.SearchID == "" {
		return "", errors.New("job payload has no search_id")
	}
	return p.SearchID, nil
}

// Generate produces the briefing for a pending search and applies its
// terminal transition. Searches already in a terminal state are left alone.
// The returned error covers storage failures and interruption; generation
// failures end up on the record. When ctx ends mid-generation the search is
// left pending and the error wraps ErrInterrupted, so the caller can run it
// again.
func (s *Service) Generate(ctx context.Context, searchID string) error {
	rec, err := s.store.GetSearchByID(ctx, searchID)
	if err != nil {
		return fmt.Errorf("loading search %s: %w", searchID, err)
	}
	if rec.Terminal() {
		return nil
	}

	summary := s.profileSummary(ctx, rec.OwnerID)

	res, genErr := s.generator.Generate(ctx, rec.Query, summary)
	if genErr != nil && ctx.Err() != nil {
		return fmt.Errorf("generating search %s: %w: %w", rec.ID, ErrInterrupted, ctx.Err())
	}
	durationMs := max(s.now().Sub(rec.CreatedAt).Milliseconds(), 0)

	// The outcome is recorded even if ctx ends from here on.
	ctx = context.WithoutCancel(ctx)

	if genErr != nil {
		failure := storage.Failure{Message: unexpectedFailureMessage, DurationMs: durationMs}
		var gf *briefing.GenerationFailed
		if errors.As(genErr, &gf) {
			failure.Message = gf.Message
			failure.Attempts = gf.Attempts
		}
		s.logger.Warn("briefing generation failed",
			"search_id", rec.ID, "attempts", failure.Attempts, "duration_ms", durationMs, "error", genErr)
		return s.transition(rec.ID, s.store.FailSearch(ctx, rec.ID, failure))
	}

	payload, err := json.Marshal(res.Payload)
	if err != nil {
		return s.transition(rec.ID, s.store.FailSearch(ctx, rec.ID, storage.Failure{
			Message:    unexpectedFailureMessage,
			DurationMs: durationMs,
			Attempts:   res.Attempts,
		}))
	}

	s.logger.Info("briefing ready", "search_id", rec.ID, "attempts", res.Attempts, "duration_ms", durationMs)
	return s.transition(rec.ID, s.store.CompleteSearch(ctx, rec.ID, storage.Completion{
		Title:      res.Title,
		Summary:    res.Summary,
		Payload:    string(payload),
		DurationMs: durationMs,
		Attempts:   res.Attempts,
	}))
}

func (s *Service) transition(id string, err error) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, storage.ErrNotPending):
		s.logger.Info("search already finalized", "search_id", id)
		return nil
	case errors.Is(err, storage.ErrNotFound):
		s.logger.Info("search deleted during generation", "search_id", id)
		return nil
	default:
		return fmt.Errorf("finalizing search %s: %w", id, err)
	}
}

func (s *Service) profileSummary(ctx context.Context, ownerID string) string {
	if s.profiles == nil {
		return ""
	}
	summary, err := s.profiles.GetSummary(ctx, ownerID)
	if err != nil {
		s.logger.Warn("failed to build profile summary", "owner", ownerID, "error", err)
		return ""
	}
	return summary
}

// Get returns one of the owner's searches.
func (s *Service) Get(ctx context.Context, ownerID, searchID string) (storage.Search, error) {
	if ownerID == "" {
		return storage.Search{}, ErrUnauthenticated
	}
	if err := s.allow(ctx, ownerID, ScopeRead); err != nil {
		return storage.Search{}, err
	}
	rec, err := s.store.GetSearch(ctx, ownerID, searchID)
	if errors.Is(err, storage.ErrNotFound) {
		return storage.Search{}, ErrNotFound
	}
	if err != nil {
		return storage.Search{}, fmt.Errorf("loading search: %w", err)
	}
	return rec, nil
}

// Delete removes one of the owner's searches.
func (s *Service) Delete(ctx context.Context, ownerID, searchID string) error {
	if ownerID == "" {
		return ErrUnauthenticated
	}
	if err := s.allow(ctx, ownerID, ScopeDelete); err != nil {
		return err
	}
	err := s.store.DeleteSearch(ctx, ownerID, searchID)
	if errors.Is(err, storage.ErrNotFound) {
		return ErrNotFound
	}
	if err != nil {
		return fmt.Errorf("deleting search: %w", err)
	}
	s.logger.Info("search deleted", "search_id", searchID, "owner", ownerID)
	return nil
}

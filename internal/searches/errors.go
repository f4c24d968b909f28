package searches

import (
	"errors"
	"fmt"
	"time"
)

var (
	// ErrUnauthenticated is returned when no owner identity is present.
	ErrUnauthenticated = errors.New("unauthenticated")
	// ErrNotFound is returned for missing searches and searches owned by
	// someone else.
	ErrNotFound = errors.New("search not found")
	// ErrInterrupted is returned by Generate when its context ended before
	// the briefing was produced. The search is still pending.
	ErrInterrupted = errors.New("generation interrupted")
)

// RateLimitError is returned when the owner has exhausted a rate limit window.
type RateLimitError struct {
	Limit      int
	RetryAfter time.Duration
}

func (e *RateLimitError) Error() string {
	return fmt.Sprintf("rate limit of %d requests exceeded, retry after %s", e.Limit, e.RetryAfter.Round(time.Second))
}

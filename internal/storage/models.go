package storage

import (
	"errors"
	"time"
)

var (
	// ErrNotFound is returned when a requested record does not exist.
	ErrNotFound = errors.New("not found")
	// ErrDuplicate is returned when a search with the same owner and
	// fingerprint already exists.
	ErrDuplicate = errors.New("duplicate search")
	// ErrNotPending is returned when a terminal transition targets a record
	// that has already left the pending state.
	ErrNotPending = errors.New("search is not pending")
)

// Search statuses.
const (
	StatusPending = "pending"
	StatusReady   = "ready"
	StatusErrored = "errored"
)

// Job statuses.
const (
	JobPending   = "pending"
	JobRunning   = "running"
	JobCompleted = "completed"
	JobFailed    = "failed"
)

type Search struct {
	ID           string
	OwnerID      string
	Query        string
	Fingerprint  string
	Status       string
	Title        string
	Summary      string
	Payload      string // JSON object stored as text
	ErrorMessage string
	DurationMs   *int64
	Attempts     int
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

// Terminal reports whether the search has left the pending state.
func (s Search) Terminal() bool {
	return s.Status == StatusReady || s.Status == StatusErrored
}

// Completion is the data written by the pending → ready transition.
type Completion struct {
	Title      string
	Summary    string
	Payload    string
	DurationMs int64
	Attempts   int
}

// Failure is the data written by the pending → errored transition.
type Failure struct {
	Message    string
	DurationMs int64
	Attempts   int
}

type Job struct {
	ID          string
	Type        string
	PayloadJSON string
	Status      string
	Attempts    int
	MaxAttempts int
	RunAfter    time.Time
	CreatedAt   time.Time
	UpdatedAt   time.Time
	LastError   string
}

// JobBackoff is the delay before a failed job becomes claimable again.
func JobBackoff(attempts int) time.Duration {
	if attempts < 1 {
		return time.Second
	}
	if attempts > 10 {
		attempts = 10
	}
	return time.Duration(1<<attempts) * time.Second
}

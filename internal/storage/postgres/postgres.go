// Package postgres is the PostgreSQL implementation of the search store. It
// mirrors storage.Store and returns the same sentinel errors.
package postgres

import (
	"context"
	"embed"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/kalambet/medbrief/internal/storage"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

const uniqueViolation = "23505"

type Store struct {
	pool *pgxpool.Pool
	now  func() time.Time
}

// Open connects to dsn, verifies the connection, and applies migrations.
func Open(ctx context.Context, dsn string) (*Store, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("parse db url: %w", err)
	}

	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("create pool: %w", err)
	}

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := pool.Ping(pingCtx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping db: %w", err)
	}

	s := &Store{pool: pool, now: time.Now}
	if err := s.migrate(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("running migrations: %w", err)
	}
	return s, nil
}

func (s *Store) Close() error {
	s.pool.Close()
	return nil
}

func (s *Store) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

func (s *Store) migrate(ctx context.Context) error {
	if _, err := s.pool.Exec(ctx, `CREATE TABLE IF NOT EXISTS schema_version (
		version INTEGER PRIMARY KEY,
		applied_at TIMESTAMPTZ NOT NULL DEFAULT now()
	)`); err != nil {
		return fmt.Errorf("creating schema_version table: %w", err)
	}

	entries, err := migrationsFS.ReadDir("migrations")
	if err != nil {
		return fmt.Errorf("reading migrations directory: %w", err)
	}
	sort.Slice(entries, func(i, j int) bool {
		return entries[i].Name() < entries[j].Name()
	})

	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".sql") {
			continue
		}
		var version int
		if _, err := fmt.Sscanf(entry.Name(), "%d_", &version); err != nil {
			return fmt.Errorf("parsing migration version from %q: %w", entry.Name(), err)
		}

		content, err := migrationsFS.ReadFile("migrations/" + entry.Name())
		if err != nil {
			return fmt.Errorf("reading migration %s: %w", entry.Name(), err)
		}

		err = pgx.BeginFunc(ctx, s.pool, func(tx pgx.Tx) error {
			tag, err := tx.Exec(ctx, `INSERT INTO schema_version (version) VALUES ($1) ON CONFLICT DO NOTHING`, version)
			if err != nil {
				return err
			}
			if tag.RowsAffected() == 0 {
				return nil
			}
			_, err = tx.Exec(ctx, string(content))
			return err
		})
		if err != nil {
			return fmt.Errorf("applying migration %d: %w", version, err)
		}
	}
	return nil
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == uniqueViolation
}

// --- Searches ---

const searchColumns = `id, owner_id, query, fingerprint, status, title, summary, payload,
	error_message, duration_ms, attempts, created_at, updated_at`

func scanSearch(row pgx.Row) (storage.Search, error) {
	var sr storage.Search
	err := row.Scan(&sr.ID, &sr.OwnerID, &sr.Query, &sr.Fingerprint, &sr.Status, &sr.Title,
		&sr.Summary, &sr.Payload, &sr.ErrorMessage, &sr.DurationMs, &sr.Attempts, &sr.CreatedAt, &sr.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return storage.Search{}, storage.ErrNotFound
	}
	if err != nil {
		return storage.Search{}, err
	}
	sr.CreatedAt = sr.CreatedAt.UTC()
	sr.UpdatedAt = sr.UpdatedAt.UTC()
	return sr, nil
}

func (s *Store) CreateSearch(ctx context.Context, sr storage.Search) error {
	createdAt := sr.CreatedAt
	if createdAt.IsZero() {
		createdAt = s.now()
	}
	payload := sr.Payload
	if payload == "" {
		payload = "{}"
	}
	_, err := s.pool.Exec(ctx, `
		INSERT INTO searches (id, owner_id, query, fingerprint, status, payload, created_at, updated_at)
		VALUES ($1, $2, $3, $4, 'pending', $5, $6, $6)`,
		sr.ID, sr.OwnerID, sr.Query, sr.Fingerprint, payload, createdAt.UTC(),
	)
	if isUniqueViolation(err) {
		return storage.ErrDuplicate
	}
	return err
}

func (s *Store) FindSearchByFingerprint(ctx context.Context, ownerID, fingerprint string) (storage.Search, error) {
	return scanSearch(s.pool.QueryRow(ctx,
		`SELECT `+searchColumns+` FROM searches WHERE owner_id = $1 AND fingerprint = $2`, ownerID, fingerprint))
}

func (s *Store) GetSearch(ctx context.Context, ownerID, id string) (storage.Search, error) {
	return scanSearch(s.pool.QueryRow(ctx,
		`SELECT `+searchColumns+` FROM searches WHERE id = $1 AND owner_id = $2`, id, ownerID))
}

func (s *Store) GetSearchByID(ctx context.Context, id string) (storage.Search, error) {
	return scanSearch(s.pool.QueryRow(ctx,
		`SELECT `+searchColumns+` FROM searches WHERE id = $1`, id))
}

func (s *Store) ListSearches(ctx context.Context, ownerID string, limit, offset int) ([]storage.Search, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT `+searchColumns+` FROM searches
		WHERE owner_id = $1
		ORDER BY created_at DESC, id DESC
		LIMIT $2 OFFSET $3`, ownerID, limit, offset)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	results := []storage.Search{}
	for rows.Next() {
		sr, err := scanSearch(rows)
		if err != nil {
			return nil, err
		}
		results = append(results, sr)
	}
	return results, rows.Err()
}

func (s *Store) CountSearches(ctx context.Context, ownerID string) (int, error) {
	var n int
	err := s.pool.QueryRow(ctx, `SELECT COUNT(*) FROM searches WHERE owner_id = $1`, ownerID).Scan(&n)
	return n, err
}

func (s *Store) CompleteSearch(ctx context.Context, id string, c storage.Completion) error {
	payload := c.Payload
	if payload == "" {
		payload = "{}"
	}
	tag, err := s.pool.Exec(ctx, `
		UPDATE searches
		SET status = 'ready', title = $1, summary = $2, payload = $3, error_message = '',
		    duration_ms = $4, attempts = $5, updated_at = $6
		WHERE id = $7 AND status = 'pending'`,
		c.Title, c.Summary, payload, c.DurationMs, c.Attempts, s.now().UTC(), id,
	)
	if err != nil {
		return err
	}
	return s.checkTransition(ctx, tag, id)
}

func (s *Store) FailSearch(ctx context.Context, id string, f storage.Failure) error {
	tag, err := s.pool.Exec(ctx, `
		UPDATE searches
		SET status = 'errored', error_message = $1, duration_ms = $2, attempts = $3, updated_at = $4
		WHERE id = $5 AND status = 'pending'`,
		f.Message, f.DurationMs, f.Attempts, s.now().UTC(), id,
	)
	if err != nil {
		return err
	}
	return s.checkTransition(ctx, tag, id)
}

func (s *Store) checkTransition(ctx context.Context, tag pgconn.CommandTag, id string) error {
	if tag.RowsAffected() == 1 {
		return nil
	}
	var exists bool
	if err := s.pool.QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM searches WHERE id = $1)`, id).Scan(&exists); err != nil {
		return err
	}
	if !exists {
		return storage.ErrNotFound
	}
	return storage.ErrNotPending
}

func (s *Store) DeleteSearch(ctx context.Context, ownerID, id string) error {
	tag, err := s.pool.Exec(ctx, `DELETE FROM searches WHERE id = $1 AND owner_id = $2`, id, ownerID)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return storage.ErrNotFound
	}
	return nil
}

// --- Owner profiles ---

func (s *Store) SetProfileKey(ctx context.Context, ownerID, key, value string) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO user_profiles (owner_id, key, value, updated_at) VALUES ($1, $2, $3, $4)
		ON CONFLICT (owner_id, key) DO UPDATE SET value = excluded.value, updated_at = excluded.updated_at`,
		ownerID, key, value, s.now().UTC(),
	)
	return err
}

func (s *Store) GetProfileKey(ctx context.Context, ownerID, key string) (string, error) {
	var value string
	err := s.pool.QueryRow(ctx, `SELECT value FROM user_profiles WHERE owner_id = $1 AND key = $2`, ownerID, key).Scan(&value)
	if errors.Is(err, pgx.ErrNoRows) {
		return "", storage.ErrNotFound
	}
	return value, err
}

func (s *Store) GetAllProfileKeys(ctx context.Context, ownerID string) (map[string]string, error) {
	rows, err := s.pool.Query(ctx, `SELECT key, value FROM user_profiles WHERE owner_id = $1`, ownerID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	result := make(map[string]string)
	for rows.Next() {
		var k, v string
		if err := rows.Scan(&k, &v); err != nil {
			return nil, err
		}
		result[k] = v
	}
	return result, rows.Err()
}

func (s *Store) DeleteProfileKey(ctx context.Context, ownerID, key string) error {
	_, err := s.pool.Exec(ctx, `DELETE FROM user_profiles WHERE owner_id = $1 AND key = $2`, ownerID, key)
	return err
}

// --- Jobs ---

const jobColumns = `id, type, payload_json, status, attempts, max_attempts, run_after, created_at, updated_at, last_error`

func scanJob(row pgx.Row) (storage.Job, error) {
	var j storage.Job
	var lastError *string
	err := row.Scan(&j.ID, &j.Type, &j.PayloadJSON, &j.Status, &j.Attempts, &j.MaxAttempts,
		&j.RunAfter, &j.CreatedAt, &j.UpdatedAt, &lastError)
	if err != nil {
		return storage.Job{}, err
	}
	if lastError != nil {
		j.LastError = *lastError
	}
	return j, nil
}

func (s *Store) EnqueueJob(ctx context.Context, job storage.Job) error {
	now := s.now().UTC()
	runAfter := now
	if !job.RunAfter.IsZero() {
		runAfter = job.RunAfter.UTC()
	}
	maxAttempts := job.MaxAttempts
	if maxAttempts == 0 {
		maxAttempts = 3
	}
	_, err := s.pool.Exec(ctx, `
		INSERT INTO jobs (id, type, payload_json, status, attempts, max_attempts, run_after, created_at, updated_at)
		VALUES ($1, $2, $3, 'pending', 0, $4, $5, $6, $6)`,
		job.ID, job.Type, job.PayloadJSON, maxAttempts, runAfter, now,
	)
	return err
}

// ClaimNextJob claims the oldest runnable job. Concurrent workers skip rows
// locked by each other.
func (s *Store) ClaimNextJob(ctx context.Context, types []string) (*storage.Job, error) {
	if len(types) == 0 {
		return nil, nil
	}
	now := s.now().UTC()
	j, err := scanJob(s.pool.QueryRow(ctx, `
		UPDATE jobs SET status = 'running', updated_at = $1
		WHERE id = (
			SELECT id FROM jobs
			WHERE status = 'pending' AND run_after <= $1 AND type = ANY($2)
			ORDER BY run_after ASC, created_at ASC
			LIMIT 1
			FOR UPDATE SKIP LOCKED
		)
		RETURNING `+jobColumns, now, types))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("claiming next job: %w", err)
	}
	return &j, nil
}

func (s *Store) CompleteJob(ctx context.Context, id string) error {
	tag, err := s.pool.Exec(ctx, `UPDATE jobs SET status = 'completed', updated_at = $1 WHERE id = $2`, s.now().UTC(), id)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return storage.ErrNotFound
	}
	return nil
}

func (s *Store) FailJob(ctx context.Context, id string, errMsg string) error {
	return pgx.BeginFunc(ctx, s.pool, func(tx pgx.Tx) error {
		var attempts, maxAttempts int
		err := tx.QueryRow(ctx, `SELECT attempts, max_attempts FROM jobs WHERE id = $1 FOR UPDATE`, id).Scan(&attempts, &maxAttempts)
		if errors.Is(err, pgx.ErrNoRows) {
			return storage.ErrNotFound
		}
		if err != nil {
			return err
		}

		now := s.now().UTC()
		attempts++
		if attempts >= maxAttempts {
			_, err = tx.Exec(ctx, `UPDATE jobs SET status = 'failed', attempts = $1, last_error = $2, updated_at = $3 WHERE id = $4`,
				attempts, errMsg, now, id)
		} else {
			_, err = tx.Exec(ctx, `UPDATE jobs SET status = 'pending', attempts = $1, last_error = $2, run_after = $3, updated_at = $4 WHERE id = $5`,
				attempts, errMsg, now.Add(storage.JobBackoff(attempts)), now, id)
		}
		return err
	})
}

// ReleaseJob returns a running job to the queue without counting an attempt.
func (s *Store) ReleaseJob(ctx context.Context, id string) error {
	now := s.now().UTC()
	tag, err := s.pool.Exec(ctx, `UPDATE jobs SET status = 'pending', run_after = $1, updated_at = $1 WHERE id = $2 AND status = 'running'`, now, id)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return storage.ErrNotFound
	}
	return nil
}

// RequeueStaleJobs returns jobs running since before cutoff to the queue.
func (s *Store) RequeueStaleJobs(ctx context.Context, cutoff time.Time) (int, error) {
	now := s.now().UTC()
	tag, err := s.pool.Exec(ctx, `UPDATE jobs SET status = 'pending', run_after = $1, updated_at = $1 WHERE status = 'running' AND updated_at < $2`, now, cutoff.UTC())
	if err != nil {
		return 0, err
	}
	return int(tag.RowsAffected()), nil
}

func (s *Store) GetJob(ctx context.Context, id string) (storage.Job, error) {
	j, err := scanJob(s.pool.QueryRow(ctx, `SELECT `+jobColumns+` FROM jobs WHERE id = $1`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return storage.Job{}, storage.ErrNotFound
	}
	return j, err
}

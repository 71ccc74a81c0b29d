package sqldb

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/jmoiron/sqlx"
	_ "modernc.org/sqlite"

	"github.com/tjfontaine/listing-gateway/internal/core/domain"
	"github.com/tjfontaine/listing-gateway/internal/core/ports"
	"github.com/tjfontaine/listing-gateway/internal/storage"
	"github.com/tjfontaine/listing-gateway/internal/storage/dialect"
)

// maxRetries bounds optimistic-concurrency loops.
const maxRetries = 32

// Store is a SQL implementation of the gateway's stores that supports
// multiple database dialects.
type Store struct {
	db      *sqlx.DB
	dialect dialect.Dialect
}

var (
	_ storage.Store        = (*Store)(nil)
	_ ports.TenantDefaults = (*Store)(nil)
)

// Config holds database connection configuration
type Config struct {
	Driver string // Driver name: sqlite, postgres
	DSN    string // Data source name / connection string
}

// New creates a new SQL store with the specified configuration.
func New(cfg Config) (*Store, error) {
	d, err := dialect.FromDriverName(cfg.Driver)
	if err != nil {
		return nil, fmt.Errorf("unsupported database driver: %w", err)
	}

	db, err := sqlx.Open(d.DriverName(), cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// SQLite allows one writer; a single connection keeps writers from
	// failing with SQLITE_BUSY instead of queueing.
	if d.Name() == "sqlite" {
		db.SetMaxOpenConns(1)
	}

	// Run dialect-specific initialization (e.g., PRAGMA for SQLite)
	for _, stmt := range d.PragmaStatements() {
		if _, err := db.Exec(stmt); err != nil {
			db.Close()
			return nil, fmt.Errorf("failed to execute pragma: %w", err)
		}
	}

	store := &Store{db: db, dialect: d}

	// Initialize schema
	if err := store.initSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}

	return store, nil
}

// NewSQLite creates a new SQLite store.
func NewSQLite(dbPath string) (*Store, error) {
	return New(Config{Driver: "sqlite", DSN: dbPath})
}

// DB returns the underlying sqlx.DB for advanced operations
func (s *Store) DB() *sqlx.DB {
	return s.db
}

// Dialect returns the dialect being used
func (s *Store) Dialect() dialect.Dialect {
	return s.dialect
}

func (s *Store) initSchema() error {
	text := s.dialect.TextType()
	statements := []string{
		`CREATE TABLE IF NOT EXISTS idempotency_keys (
tenant_id TEXT NOT NULL,
idem_key TEXT NOT NULL,
state TEXT NOT NULL,
lease TEXT NOT NULL DEFAULT '',
result ` + text + `,
created_at BIGINT NOT NULL,
expires_at BIGINT NOT NULL,
PRIMARY KEY (tenant_id, idem_key)
)`,
		`CREATE TABLE IF NOT EXISTS rate_buckets (
tenant_id TEXT PRIMARY KEY,
tokens DOUBLE PRECISION NOT NULL,
last_refill BIGINT NOT NULL,
version BIGINT NOT NULL
)`,
		`CREATE TABLE IF NOT EXISTS jobs (
id TEXT PRIMARY KEY,
tenant_id TEXT NOT NULL,
kind TEXT NOT NULL,
idempotency_key TEXT NOT NULL,
state TEXT NOT NULL,
current_stage TEXT NOT NULL,
request ` + text + ` NOT NULL,
result ` + text + `,
error ` + text + `,
created_at BIGINT NOT NULL,
updated_at BIGINT NOT NULL,
started_at BIGINT,
finished_at BIGINT,
owner TEXT NOT NULL DEFAULT '',
heartbeat_at BIGINT
)`,
		`CREATE TABLE IF NOT EXISTS tenant_defaults (
tenant_id TEXT PRIMARY KEY,
defaults ` + text + ` NOT NULL,
updated_at BIGINT NOT NULL
)`,
		`CREATE INDEX IF NOT EXISTS idx_idempotency_expires ON idempotency_keys(expires_at)`,
		`CREATE INDEX IF NOT EXISTS idx_jobs_state ON jobs(state, created_at)`,
	}

	for _, stmt := range statements {
		if _, err := s.db.Exec(stmt); err != nil {
			return fmt.Errorf("failed to execute schema statement: %w", err)
		}
	}
	return nil
}

// Close closes the database connection
func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) rebind(query string) string {
	return s.dialect.Rebind(query)
}

// Idempotency

type idempotencyRow struct {
	TenantID  string         `db:"tenant_id"`
	Key       string         `db:"idem_key"`
	State     string         `db:"state"`
	Lease     string         `db:"lease"`
	Result    sql.NullString `db:"result"`
	CreatedAt int64          `db:"created_at"`
	ExpiresAt int64          `db:"expires_at"`
}

func (r *idempotencyRow) entry() (*ports.IdempotencyEntry, error) {
	e := &ports.IdempotencyEntry{
		IdempotencyKey: ports.IdempotencyKey{TenantID: r.TenantID, Key: r.Key},
		State:          ports.IdempotencyState(r.State),
		Lease:          r.Lease,
		CreatedAt:      time.Unix(0, r.CreatedAt),
		ExpiresAt:      time.Unix(0, r.ExpiresAt),
	}
	if r.Result.Valid && r.Result.String != "" {
		var result domain.ListingResult
		if err := json.Unmarshal([]byte(r.Result.String), &result); err != nil {
			return nil, fmt.Errorf("failed to decode stored result: %w", err)
		}
		e.Result = &result
	}
	return e, nil
}

// Begin installs the placeholder with a conditional upsert: the row is only
// overwritten when the existing one has expired.
func (s *Store) Begin(ctx context.Context, key ports.IdempotencyKey, lease string, now time.Time, leaseTTL time.Duration) (*ports.IdempotencyEntry, error) {
	upsert := s.rebind(`INSERT INTO idempotency_keys (tenant_id, idem_key, state, lease, result, created_at, expires_at)
VALUES (?, ?, ?, ?, NULL, ?, ?) ` +
		s.dialect.UpsertClause([]string{"tenant_id", "idem_key"}, []string{"state", "lease", "result", "created_at", "expires_at"}) +
		` WHERE idempotency_keys.expires_at <= ?`)

	for range maxRetries {
		res, err := s.db.ExecContext(ctx, upsert,
			key.TenantID, key.Key, string(ports.IdempotencyInFlight), lease,
			now.UnixNano(), now.Add(leaseTTL).UnixNano(), now.UnixNano())
		if err != nil {
			return nil, fmt.Errorf("failed to begin idempotency key: %w", err)
		}
		if n, err := res.RowsAffected(); err == nil && n > 0 {
			return nil, nil
		}

		entry, err := s.idempotencyEntry(ctx, key)
		if errors.Is(err, ports.ErrNotFound) {
			continue // released between the upsert and the read
		}
		if err != nil {
			return nil, err
		}
		if !entry.Live(now) {
			continue
		}
		return entry, nil
	}
	return nil, fmt.Errorf("idempotency key %q: too much contention", key.Key)
}

func (s *Store) idempotencyEntry(ctx context.Context, key ports.IdempotencyKey) (*ports.IdempotencyEntry, error) {
	query := s.rebind(`SELECT tenant_id, idem_key, state, lease, result, created_at, expires_at
FROM idempotency_keys WHERE tenant_id = ? AND idem_key = ?`)
	var row idempotencyRow
	err := s.db.GetContext(ctx, &row, query, key.TenantID, key.Key)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ports.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read idempotency key: %w", err)
	}
	return row.entry()
}

// Complete stores result over the placeholder held by lease, or over an
// expired entry.
func (s *Store) Complete(ctx context.Context, key ports.IdempotencyKey, lease string, result *domain.ListingResult, now time.Time, ttl time.Duration) error {
	data, err := json.Marshal(result)
	if err != nil {
		return fmt.Errorf("failed to encode result: %w", err)
	}
	query := s.rebind(`INSERT INTO idempotency_keys (tenant_id, idem_key, state, lease, result, created_at, expires_at)
VALUES (?, ?, ?, ?, ?, ?, ?) ` +
		s.dialect.UpsertClause([]string{"tenant_id", "idem_key"}, []string{"state", "lease", "result", "expires_at"}) +
		` WHERE (idempotency_keys.state = ? AND idempotency_keys.lease = ?) OR idempotency_keys.expires_at <= ?`)
	res, err := s.db.ExecContext(ctx, query,
		key.TenantID, key.Key, string(ports.IdempotencyCompleted), lease, string(data),
		now.UnixNano(), now.Add(ttl).UnixNano(),
		string(ports.IdempotencyInFlight), lease, now.UnixNano())
	if err != nil {
		return fmt.Errorf("failed to complete idempotency key: %w", err)
	}
	if n, err := res.RowsAffected(); err == nil && n > 0 {
		return nil
	}

	entry, err := s.idempotencyEntry(ctx, key)
	if err != nil {
		return err
	}
	if entry.Lease == lease && entry.State == ports.IdempotencyCompleted {
		return nil
	}
	return ports.ErrLeaseLost
}

func (s *Store) Release(ctx context.Context, key ports.IdempotencyKey, lease string) error {
	query := s.rebind(`DELETE FROM idempotency_keys WHERE tenant_id = ? AND idem_key = ? AND state = ? AND lease = ?`)
	if _, err := s.db.ExecContext(ctx, query, key.TenantID, key.Key, string(ports.IdempotencyInFlight), lease); err != nil {
		return fmt.Errorf("failed to release idempotency key: %w", err)
	}
	return nil
}

// SweepIdempotency deletes entries that expired at or before now.
func (s *Store) SweepIdempotency(ctx context.Context, now time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx, s.rebind(`DELETE FROM idempotency_keys WHERE expires_at <= ?`), now.UnixNano())
	if err != nil {
		return 0, fmt.Errorf("failed to sweep idempotency keys: %w", err)
	}
	return res.RowsAffected()
}

// Rate buckets

type bucketRow struct {
	Tokens     float64 `db:"tokens"`
	LastRefill int64   `db:"last_refill"`
	Version    int64   `db:"version"`
}

// Apply runs fn against the stored bucket and writes the result with a
// version check, retrying when another writer got there first.
func (s *Store) Apply(ctx context.Context, tenantID string, fn func(current ports.Bucket, exists bool) ports.Bucket) (ports.Bucket, error) {
	selectQuery := s.rebind(`SELECT tokens, last_refill, version FROM rate_buckets WHERE tenant_id = ?`)
	insertQuery := s.rebind(`INSERT INTO rate_buckets (tenant_id, tokens, last_refill, version) VALUES (?, ?, ?, 1) ` +
		s.dialect.UpsertClause([]string{"tenant_id"}, nil))
	updateQuery := s.rebind(`UPDATE rate_buckets SET tokens = ?, last_refill = ?, version = version + 1
WHERE tenant_id = ? AND version = ?`)

	for range maxRetries {
		var row bucketRow
		err := s.db.GetContext(ctx, &row, selectQuery, tenantID)
		exists := err == nil
		if err != nil && !errors.Is(err, sql.ErrNoRows) {
			return ports.Bucket{}, fmt.Errorf("failed to read bucket: %w", err)
		}

		var current ports.Bucket
		if exists {
			current = ports.Bucket{Tokens: row.Tokens, LastRefill: time.Unix(0, row.LastRefill)}
		}
		next := fn(current, exists)

		var res sql.Result
		if exists {
			res, err = s.db.ExecContext(ctx, updateQuery, next.Tokens, next.LastRefill.UnixNano(), tenantID, row.Version)
		} else {
			res, err = s.db.ExecContext(ctx, insertQuery, tenantID, next.Tokens, next.LastRefill.UnixNano())
		}
		if err != nil {
			return ports.Bucket{}, fmt.Errorf("failed to write bucket: %w", err)
		}
		if n, err := res.RowsAffected(); err == nil && n == 1 {
			return next, nil
		}
	}
	return ports.Bucket{}, fmt.Errorf("rate bucket %q: too much contention", tenantID)
}

// Jobs

type jobRow struct {
	ID             string         `db:"id"`
	TenantID       string         `db:"tenant_id"`
	Kind           string         `db:"kind"`
	IdempotencyKey string         `db:"idempotency_key"`
	State          string         `db:"state"`
	CurrentStage   string         `db:"current_stage"`
	Request        string         `db:"request"`
	Result         sql.NullString `db:"result"`
	Error          sql.NullString `db:"error"`
	CreatedAt      int64          `db:"created_at"`
	UpdatedAt      int64          `db:"updated_at"`
	StartedAt      sql.NullInt64  `db:"started_at"`
	FinishedAt     sql.NullInt64  `db:"finished_at"`
	Owner          string         `db:"owner"`
	HeartbeatAt    sql.NullInt64  `db:"heartbeat_at"`
}

const jobColumns = `id, tenant_id, kind, idempotency_key, state, current_stage, request, result, error,
created_at, updated_at, started_at, finished_at, owner, heartbeat_at`

func (r *jobRow) job() (*domain.Job, error) {
	job := &domain.Job{
		ID:             r.ID,
		TenantID:       r.TenantID,
		Kind:           domain.JobKind(r.Kind),
		IdempotencyKey: r.IdempotencyKey,
		State:          domain.JobState(r.State),
		CurrentStage:   domain.StageName(r.CurrentStage),
		CreatedAt:      time.Unix(0, r.CreatedAt),
		UpdatedAt:      time.Unix(0, r.UpdatedAt),
		Owner:          r.Owner,
	}
	if err := json.Unmarshal([]byte(r.Request), &job.Request); err != nil {
		return nil, fmt.Errorf("failed to decode job request: %w", err)
	}
	// TenantID is not serialized with the request body.
	job.Request.TenantID = r.TenantID
	if r.Result.Valid && r.Result.String != "" {
		job.Result = &domain.ListingResult{}
		if err := json.Unmarshal([]byte(r.Result.String), job.Result); err != nil {
			return nil, fmt.Errorf("failed to decode job result: %w", err)
		}
	}
	if r.Error.Valid && r.Error.String != "" {
		job.Error = &domain.JobError{}
		if err := json.Unmarshal([]byte(r.Error.String), job.Error); err != nil {
			return nil, fmt.Errorf("failed to decode job error: %w", err)
		}
	}
	if r.StartedAt.Valid {
		t := time.Unix(0, r.StartedAt.Int64)
		job.StartedAt = &t
	}
	if r.FinishedAt.Valid {
		t := time.Unix(0, r.FinishedAt.Int64)
		job.FinishedAt = &t
	}
	if r.HeartbeatAt.Valid {
		t := time.Unix(0, r.HeartbeatAt.Int64)
		job.HeartbeatAt = &t
	}
	return job, nil
}

func toJobRow(job *domain.Job) (*jobRow, error) {
	req, err := json.Marshal(job.Request)
	if err != nil {
		return nil, fmt.Errorf("failed to encode job request: %w", err)
	}
	row := &jobRow{
		ID:             job.ID,
		TenantID:       job.TenantID,
		Kind:           string(job.Kind),
		IdempotencyKey: job.IdempotencyKey,
		State:          string(job.State),
		CurrentStage:   string(job.CurrentStage),
		Request:        string(req),
		CreatedAt:      job.CreatedAt.UnixNano(),
		UpdatedAt:      job.UpdatedAt.UnixNano(),
		Owner:          job.Owner,
	}
	if job.Result != nil {
		data, err := json.Marshal(job.Result)
		if err != nil {
			return nil, fmt.Errorf("failed to encode job result: %w", err)
		}
		row.Result = sql.NullString{String: string(data), Valid: true}
	}
	if job.Error != nil {
		data, err := json.Marshal(job.Error)
		if err != nil {
			return nil, fmt.Errorf("failed to encode job error: %w", err)
		}
		row.Error = sql.NullString{String: string(data), Valid: true}
	}
	if job.StartedAt != nil {
		row.StartedAt = sql.NullInt64{Int64: job.StartedAt.UnixNano(), Valid: true}
	}
	if job.FinishedAt != nil {
		row.FinishedAt = sql.NullInt64{Int64: job.FinishedAt.UnixNano(), Valid: true}
	}
	if job.HeartbeatAt != nil {
		row.HeartbeatAt = sql.NullInt64{Int64: job.HeartbeatAt.UnixNano(), Valid: true}
	}
	return row, nil
}

func (s *Store) CreateJob(ctx context.Context, job *domain.Job) error {
	row, err := toJobRow(job)
	if err != nil {
		return err
	}
	query := s.rebind(`INSERT INTO jobs (` + jobColumns + `)
VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?) ` + s.dialect.UpsertClause([]string{"id"}, nil))
	res, err := s.db.ExecContext(ctx, query,
		row.ID, row.TenantID, row.Kind, row.IdempotencyKey, row.State, row.CurrentStage,
		row.Request, row.Result, row.Error, row.CreatedAt, row.UpdatedAt, row.StartedAt, row.FinishedAt,
		row.Owner, row.HeartbeatAt)
	if err != nil {
		return fmt.Errorf("failed to create job: %w", err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return ports.ErrAlreadyExists
	}
	return nil
}

func (s *Store) GetJob(ctx context.Context, id string) (*domain.Job, error) {
	var row jobRow
	err := s.db.GetContext(ctx, &row, s.rebind(`SELECT `+jobColumns+` FROM jobs WHERE id = ?`), id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ports.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get job: %w", err)
	}
	return row.job()
}

// TransitionJob reads the job, applies the move in memory and writes it back
// guarded on the state it read.
func (s *Store) TransitionJob(ctx context.Context, id string, to domain.JobState, at time.Time, mutate func(*domain.Job)) (*domain.Job, error) {
	update := s.rebind(`UPDATE jobs SET state = ?, current_stage = ?, result = ?, error = ?, updated_at = ?,
started_at = ?, finished_at = ?, owner = ?, heartbeat_at = ? WHERE id = ? AND state = ?`)

	for range maxRetries {
		job, err := s.GetJob(ctx, id)
		if err != nil {
			return nil, err
		}
		from := job.State
		if !job.Transition(to, at) {
			return nil, ports.ErrInvalidTransition
		}
		if mutate != nil {
			mutate(job)
		}
		row, err := toJobRow(job)
		if err != nil {
			return nil, err
		}
		res, err := s.db.ExecContext(ctx, update,
			row.State, row.CurrentStage, row.Result, row.Error, row.UpdatedAt,
			row.StartedAt, row.FinishedAt, row.Owner, row.HeartbeatAt, id, string(from))
		if err != nil {
			return nil, fmt.Errorf("failed to transition job: %w", err)
		}
		if n, err := res.RowsAffected(); err == nil && n == 1 {
			return job, nil
		}
	}
	return nil, fmt.Errorf("job %s: too much contention", id)
}

func (s *Store) SetJobStage(ctx context.Context, id string, stage domain.StageName, at time.Time) error {
	query := s.rebind(`UPDATE jobs SET current_stage = ?, updated_at = ? WHERE id = ? AND state = ?`)
	res, err := s.db.ExecContext(ctx, query, string(stage), at.UnixNano(), id, string(domain.JobRunning))
	if err != nil {
		return fmt.Errorf("failed to set job stage: %w", err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		if _, err := s.GetJob(ctx, id); err != nil {
			return err
		}
	}
	return nil
}

func (s *Store) HeartbeatJob(ctx context.Context, id, owner string, at time.Time) error {
	query := s.rebind(`UPDATE jobs SET heartbeat_at = ? WHERE id = ? AND state = ? AND owner = ?`)
	res, err := s.db.ExecContext(ctx, query, at.UnixNano(), id, string(domain.JobRunning), owner)
	if err != nil {
		return fmt.Errorf("failed to record job heartbeat: %w", err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		if _, err := s.GetJob(ctx, id); err != nil {
			return err
		}
		return ports.ErrInvalidTransition
	}
	return nil
}

// InterruptJob fails a stale running job. The write is guarded on the
// heartbeat that was read, so an owner reporting in between wins.
func (s *Store) InterruptJob(ctx context.Context, id string, cutoff, at time.Time, mutate func(*domain.Job)) (*domain.Job, error) {
	job, err := s.GetJob(ctx, id)
	if err != nil {
		return nil, err
	}
	if job.State != domain.JobRunning || !job.Stale(cutoff) {
		return nil, ports.ErrInvalidTransition
	}
	job.Transition(domain.JobFailed, at)
	if mutate != nil {
		mutate(job)
	}
	row, err := toJobRow(job)
	if err != nil {
		return nil, err
	}
	update := s.rebind(`UPDATE jobs SET state = ?, error = ?, updated_at = ?, finished_at = ?
WHERE id = ? AND state = ? AND (heartbeat_at IS NULL OR heartbeat_at < ?)`)
	res, err := s.db.ExecContext(ctx, update,
		row.State, row.Error, row.UpdatedAt, row.FinishedAt,
		id, string(domain.JobRunning), cutoff.UnixNano())
	if err != nil {
		return nil, fmt.Errorf("failed to interrupt job: %w", err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return nil, ports.ErrInvalidTransition
	}
	return job, nil
}

func (s *Store) ListJobs(ctx context.Context, states ...domain.JobState) ([]*domain.Job, error) {
	query := `SELECT ` + jobColumns + ` FROM jobs`
	args := make([]any, 0, len(states))
	if len(states) > 0 {
		placeholders := make([]string, len(states))
		for i, st := range states {
			placeholders[i] = "?"
			args = append(args, string(st))
		}
		query += ` WHERE state IN (` + strings.Join(placeholders, ", ") + `)`
	}
	query += ` ORDER BY created_at ASC`

	var rows []jobRow
	if err := s.db.SelectContext(ctx, &rows, s.rebind(query), args...); err != nil {
		return nil, fmt.Errorf("failed to list jobs: %w", err)
	}
	jobs := make([]*domain.Job, 0, len(rows))
	for i := range rows {
		job, err := rows[i].job()
		if err != nil {
			return nil, err
		}
		jobs = append(jobs, job)
	}
	return jobs, nil
}

// Tenant defaults

// ChannelDefaults returns the stored defaults for tenantID, or nil when none exist.
func (s *Store) ChannelDefaults(ctx context.Context, tenantID string) (*domain.ChannelDefaults, error) {
	var data string
	err := s.db.GetContext(ctx, &data, s.rebind(`SELECT defaults FROM tenant_defaults WHERE tenant_id = ?`), tenantID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get tenant defaults: %w", err)
	}
	var defaults domain.ChannelDefaults
	if err := json.Unmarshal([]byte(data), &defaults); err != nil {
		return nil, fmt.Errorf("failed to decode tenant defaults: %w", err)
	}
	return &defaults, nil
}

// PutChannelDefaults stores defaults for tenantID, replacing any previous value.
func (s *Store) PutChannelDefaults(ctx context.Context, tenantID string, defaults *domain.ChannelDefaults, at time.Time) error {
	data, err := json.Marshal(defaults)
	if err != nil {
		return fmt.Errorf("failed to encode tenant defaults: %w", err)
	}
	query := s.rebind(`INSERT INTO tenant_defaults (tenant_id, defaults, updated_at) VALUES (?, ?, ?) ` +
		s.dialect.UpsertClause([]string{"tenant_id"}, []string{"defaults", "updated_at"}))
	if _, err := s.db.ExecContext(ctx, query, tenantID, string(data), at.UnixNano()); err != nil {
		return fmt.Errorf("failed to put tenant defaults: %w", err)
	}
	return nil
}

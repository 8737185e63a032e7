// ABOUTME: SQLite implementation of the Store interface using modernc.org/sqlite
// ABOUTME: Persists jobs, agents, checksums and ledger events with automatic schema creation

package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	"github.com/2389/gantry/internal/checksum"
	"github.com/2389/gantry/internal/events"
	"github.com/2389/gantry/internal/work"
)

// SQLiteStore implements the Store interface using SQLite
type SQLiteStore struct {
	db     *sql.DB
	logger *slog.Logger
}

// NewSQLiteStore creates a new SQLite store at the given path.
// The schema is automatically created if it doesn't exist.
// Parent directories are created if needed. ":memory:" gives a private
// in-memory database.
func NewSQLiteStore(path string) (*SQLiteStore, error) {
	logger := slog.Default().With("component", "store")

	if path != ":memory:" {
		dir := filepath.Dir(path)
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, fmt.Errorf("creating database directory: %w", err)
		}
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}
	// SQLite has a single writer, and each pooled ":memory:" connection would
	// otherwise see its own empty database.
	db.SetMaxOpenConns(1)

	// Enable WAL mode for better concurrent performance
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("enabling WAL mode: %w", err)
	}

	if _, err := db.Exec("PRAGMA busy_timeout=5000"); err != nil {
		db.Close()
		return nil, fmt.Errorf("setting busy timeout: %w", err)
	}

	s := &SQLiteStore{
		db:     db,
		logger: logger,
	}

	if err := s.createSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("creating schema: %w", err)
	}

	if err := s.runMigrations(); err != nil {
		db.Close()
		return nil, fmt.Errorf("running migrations: %w", err)
	}

	logger.Info("SQLite store initialized", "path", path)
	return s, nil
}

// createSchema creates the database tables if they don't exist
func (s *SQLiteStore) createSchema() error {
	schema := `
		CREATE TABLE IF NOT EXISTS jobs (
			build_id          INTEGER PRIMARY KEY AUTOINCREMENT,
			pipeline_name     TEXT NOT NULL,
			pipeline_counter  INTEGER NOT NULL,
			stage_name        TEXT NOT NULL,
			stage_counter     INTEGER NOT NULL,
			job_name          TEXT NOT NULL,
			plan_json         TEXT NOT NULL,
			cause_json        TEXT NOT NULL,
			state             TEXT NOT NULL,
			result            TEXT NOT NULL,
			agent_uuid        TEXT,
			cancel_requested  INTEGER NOT NULL DEFAULT 0,
			scheduled_at      TEXT NOT NULL,
			assigned_at       TEXT,
			completed_at      TEXT,

			CHECK (state IN ('Scheduled', 'Assigned', 'Preparing', 'Building', 'Completing', 'Completed')),
			CHECK (result IN ('Unknown', 'Passed', 'Failed', 'Cancelled'))
		);

		CREATE UNIQUE INDEX IF NOT EXISTS idx_jobs_locator
			ON jobs(pipeline_name, pipeline_counter, stage_name, stage_counter, job_name);

		CREATE INDEX IF NOT EXISTS idx_jobs_state ON jobs(state);

		CREATE TABLE IF NOT EXISTS agents (
			uuid           TEXT PRIMARY KEY,
			hostname       TEXT NOT NULL,
			ip_address     TEXT NOT NULL,
			location       TEXT,
			resources      TEXT NOT NULL DEFAULT '',
			enabled        INTEGER NOT NULL DEFAULT 1,
			registered_at  TEXT NOT NULL,
			last_heard     TEXT NOT NULL
		);

		CREATE TABLE IF NOT EXISTS checksums (
			build_id   INTEGER NOT NULL,
			path       TEXT NOT NULL,
			digest     TEXT NOT NULL,
			algorithm  TEXT NOT NULL,
			PRIMARY KEY (build_id, path)
		);

		CREATE TABLE IF NOT EXISTS ledger_events (
			event_id    TEXT PRIMARY KEY,
			type        TEXT NOT NULL,
			topic       TEXT NOT NULL,
			agent_uuid  TEXT,
			job_json    TEXT,
			state       TEXT,
			result      TEXT,
			message     TEXT,
			timestamp   TEXT NOT NULL
		);

		CREATE INDEX IF NOT EXISTS idx_ledger_events_timestamp ON ledger_events(timestamp);
	`

	_, err := s.db.Exec(schema)
	return err
}

// runMigrations applies schema migrations for existing databases.
// These are idempotent - safe to run multiple times.
func (s *SQLiteStore) runMigrations() error {
	// SQLite doesn't support ADD COLUMN IF NOT EXISTS, so we check first
	migrations := []struct {
		table  string
		column string
		apply  string
	}{
		{
			table:  "agents",
			column: "environments",
			apply:  `ALTER TABLE agents ADD COLUMN environments TEXT NOT NULL DEFAULT ''`,
		},
	}

	for _, m := range migrations {
		var exists int
		err := s.db.QueryRow(`SELECT 1 FROM pragma_table_info(?) WHERE name = ?`, m.table, m.column).Scan(&exists)
		if err == nil {
			continue
		}
		if _, err := s.db.Exec(m.apply); err != nil {
			return fmt.Errorf("adding %s column to %s: %w", m.column, m.table, err)
		}
		s.logger.Info("applied migration", "column", m.column, "table", m.table)
	}
	return nil
}

// Close closes the database connection
func (s *SQLiteStore) Close() error {
	s.logger.Info("closing SQLite store")
	return s.db.Close()
}

// isConstraintViolation checks if the error is a SQLite UNIQUE constraint violation
func isConstraintViolation(err error) bool {
	if err == nil {
		return false
	}
	errStr := err.Error()
	return strings.Contains(errStr, "UNIQUE constraint failed") ||
		strings.Contains(errStr, "constraint failed")
}

func formatTime(t time.Time) string {
	return t.UTC().Format(time.RFC3339Nano)
}

func nullTime(t *time.Time) any {
	if t == nil {
		return nil
	}
	return formatTime(*t)
}

func nullString(s string) any {
	if s == "" {
		return nil
	}
	return s
}

func parseNullTime(ns sql.NullString) (*time.Time, error) {
	if !ns.Valid {
		return nil, nil
	}
	t, err := time.Parse(time.RFC3339Nano, ns.String)
	if err != nil {
		return nil, err
	}
	return &t, nil
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

func joinList(items []string) string {
	return strings.Join(items, ",")
}

func splitList(s string) []string {
	if s == "" {
		return nil
	}
	return strings.Split(s, ",")
}

// CreateJob inserts a scheduled job and assigns its build ID.
// Returns ErrDuplicateJob if the locator already exists.
func (s *SQLiteStore) CreateJob(ctx context.Context, job *Job) error {
	planJSON, err := json.Marshal(job.Plan)
	if err != nil {
		return fmt.Errorf("encoding plan: %w", err)
	}
	causeJSON, err := json.Marshal(job.Cause)
	if err != nil {
		return fmt.Errorf("encoding cause: %w", err)
	}
	if job.State == "" {
		job.State = work.JobStateScheduled
	}
	if job.Result == "" {
		job.Result = work.ResultUnknown
	}

	id := job.Plan.Identifier
	var buildID any
	if job.BuildID != 0 {
		buildID = job.BuildID
	}
	res, err := s.db.ExecContext(ctx, `
		INSERT INTO jobs (
			build_id, pipeline_name, pipeline_counter, stage_name, stage_counter, job_name,
			plan_json, cause_json, state, result, agent_uuid, cancel_requested,
			scheduled_at, assigned_at, completed_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		buildID, id.PipelineName, id.PipelineCounter, id.StageName, id.StageCounter, id.JobName,
		string(planJSON), string(causeJSON), string(job.State), string(job.Result),
		nullString(job.AgentUUID), boolToInt(job.CancelRequested),
		formatTime(job.ScheduledAt), nullTime(job.AssignedAt), nullTime(job.CompletedAt),
	)
	if err != nil {
		if isConstraintViolation(err) {
			return ErrDuplicateJob
		}
		return fmt.Errorf("inserting job: %w", err)
	}
	newID, err := res.LastInsertId()
	if err != nil {
		return fmt.Errorf("reading build id: %w", err)
	}
	job.BuildID = newID
	job.Plan.Identifier.BuildID = newID

	s.logger.Debug("created job", "build_id", newID, "job", id.String())
	return nil
}

const jobColumns = `build_id, plan_json, cause_json, state, result, agent_uuid, cancel_requested,
	scheduled_at, assigned_at, completed_at`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanJob(row rowScanner) (*Job, error) {
	var (
		job                     Job
		planJSON, causeJSON     string
		state, result           string
		agentUUID               sql.NullString
		cancelRequested         int
		scheduledAt             string
		assignedAt, completedAt sql.NullString
	)
	if err := row.Scan(&job.BuildID, &planJSON, &causeJSON, &state, &result, &agentUUID,
		&cancelRequested, &scheduledAt, &assignedAt, &completedAt); err != nil {
		return nil, err
	}
	if err := json.Unmarshal([]byte(planJSON), &job.Plan); err != nil {
		return nil, fmt.Errorf("decoding plan: %w", err)
	}
	if err := json.Unmarshal([]byte(causeJSON), &job.Cause); err != nil {
		return nil, fmt.Errorf("decoding cause: %w", err)
	}
	job.Plan.Identifier.BuildID = job.BuildID
	job.State = work.JobState(state)
	job.Result = work.Result(result)
	job.AgentUUID = agentUUID.String
	job.CancelRequested = cancelRequested != 0

	var err error
	if job.ScheduledAt, err = time.Parse(time.RFC3339Nano, scheduledAt); err != nil {
		return nil, fmt.Errorf("parsing scheduled_at: %w", err)
	}
	if job.AssignedAt, err = parseNullTime(assignedAt); err != nil {
		return nil, fmt.Errorf("parsing assigned_at: %w", err)
	}
	if job.CompletedAt, err = parseNullTime(completedAt); err != nil {
		return nil, fmt.Errorf("parsing completed_at: %w", err)
	}
	return &job, nil
}

// GetJob retrieves a job by build ID.
// Returns ErrNotFound if the job doesn't exist.
func (s *SQLiteStore) GetJob(ctx context.Context, buildID int64) (*Job, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+jobColumns+` FROM jobs WHERE build_id = ?`, buildID)
	job, err := scanJob(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("querying job: %w", err)
	}
	return job, nil
}

// ListJobs returns jobs in the given states (all jobs if none given), oldest first.
func (s *SQLiteStore) ListJobs(ctx context.Context, states ...work.JobState) ([]*Job, error) {
	query := `SELECT ` + jobColumns + ` FROM jobs`
	args := make([]any, 0, len(states))
	if len(states) > 0 {
		placeholders := make([]string, len(states))
		for i, st := range states {
			placeholders[i] = "?"
			args = append(args, string(st))
		}
		query += ` WHERE state IN (` + strings.Join(placeholders, ",") + `)`
	}
	query += ` ORDER BY build_id ASC`

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("querying jobs: %w", err)
	}
	defer rows.Close()

	var jobs []*Job
	for rows.Next() {
		job, err := scanJob(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning job: %w", err)
		}
		jobs = append(jobs, job)
	}
	return jobs, rows.Err()
}

// jobExists distinguishes "no such job" from "job in the wrong state".
func (s *SQLiteStore) jobExists(ctx context.Context, buildID int64) error {
	var one int
	err := s.db.QueryRowContext(ctx, `SELECT 1 FROM jobs WHERE build_id = ?`, buildID).Scan(&one)
	if errors.Is(err, sql.ErrNoRows) {
		return ErrNotFound
	}
	return err
}

// ClaimJob moves a Scheduled, uncancelled job to Assigned for agentUUID.
// Returns ErrAlreadyClaimed if the job is not claimable.
func (s *SQLiteStore) ClaimJob(ctx context.Context, buildID int64, agentUUID string, at time.Time) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE jobs SET state = ?, agent_uuid = ?, assigned_at = ?
		WHERE build_id = ? AND state = ? AND cancel_requested = 0`,
		string(work.JobStateAssigned), agentUUID, formatTime(at), buildID, string(work.JobStateScheduled),
	)
	if err != nil {
		return fmt.Errorf("claiming job: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("checking rows affected: %w", err)
	}
	if n == 0 {
		if err := s.jobExists(ctx, buildID); err != nil {
			return err
		}
		return ErrAlreadyClaimed
	}
	return nil
}

// UpdateJobState records an agent-reported progress state for an active job.
func (s *SQLiteStore) UpdateJobState(ctx context.Context, buildID int64, state work.JobState) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE jobs SET state = ? WHERE build_id = ? AND state != ?`,
		string(state), buildID, string(work.JobStateCompleted),
	)
	if err != nil {
		return fmt.Errorf("updating job state: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		if err := s.jobExists(ctx, buildID); err != nil {
			return err
		}
		return ErrAlreadyCompleted
	}
	return nil
}

// RequeueJob returns an unfinished job to Scheduled with no agent.
func (s *SQLiteStore) RequeueJob(ctx context.Context, buildID int64) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE jobs SET state = ?, agent_uuid = NULL, assigned_at = NULL
		WHERE build_id = ? AND state != ?`,
		string(work.JobStateScheduled), buildID, string(work.JobStateCompleted),
	)
	if err != nil {
		return fmt.Errorf("requeueing job: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		if err := s.jobExists(ctx, buildID); err != nil {
			return err
		}
		return ErrAlreadyCompleted
	}
	return nil
}

// RequestCancel flags a job as cancelled by the user.
func (s *SQLiteStore) RequestCancel(ctx context.Context, buildID int64) error {
	res, err := s.db.ExecContext(ctx, `UPDATE jobs SET cancel_requested = 1 WHERE build_id = ?`, buildID)
	if err != nil {
		return fmt.Errorf("requesting cancel: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// CompleteJob records the terminal result. Returns ErrAlreadyCompleted if
// the job already has one.
func (s *SQLiteStore) CompleteJob(ctx context.Context, buildID int64, result work.Result, at time.Time) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE jobs SET state = ?, result = ?, completed_at = ?
		WHERE build_id = ? AND state != ?`,
		string(work.JobStateCompleted), string(result), formatTime(at), buildID, string(work.JobStateCompleted),
	)
	if err != nil {
		return fmt.Errorf("completing job: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		if err := s.jobExists(ctx, buildID); err != nil {
			return err
		}
		return ErrAlreadyCompleted
	}
	s.logger.Debug("completed job", "build_id", buildID, "result", result)
	return nil
}

// SaveAgent inserts or updates an agent record.
func (s *SQLiteStore) SaveAgent(ctx context.Context, agent *AgentRecord) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO agents (uuid, hostname, ip_address, location, resources, environments, enabled, registered_at, last_heard)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(uuid) DO UPDATE SET
			hostname = excluded.hostname,
			ip_address = excluded.ip_address,
			location = excluded.location,
			resources = excluded.resources,
			environments = excluded.environments,
			enabled = excluded.enabled,
			last_heard = excluded.last_heard`,
		agent.UUID, agent.HostName, agent.IPAddress, nullString(agent.Location),
		joinList(agent.Resources), joinList(agent.Environments), boolToInt(agent.Enabled),
		formatTime(agent.RegisteredAt), formatTime(agent.LastHeard),
	)
	if err != nil {
		return fmt.Errorf("saving agent: %w", err)
	}
	return nil
}

// ListAgents returns every persisted agent ordered by UUID.
func (s *SQLiteStore) ListAgents(ctx context.Context) ([]*AgentRecord, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT uuid, hostname, ip_address, location, resources, environments, enabled, registered_at, last_heard
		FROM agents ORDER BY uuid`)
	if err != nil {
		return nil, fmt.Errorf("querying agents: %w", err)
	}
	defer rows.Close()

	var agents []*AgentRecord
	for rows.Next() {
		var (
			a                       AgentRecord
			location                sql.NullString
			resources, environments string
			enabled                 int
			registeredAt, lastHeard string
		)
		if err := rows.Scan(&a.UUID, &a.HostName, &a.IPAddress, &location, &resources, &environments,
			&enabled, &registeredAt, &lastHeard); err != nil {
			return nil, fmt.Errorf("scanning agent: %w", err)
		}
		a.Location = location.String
		a.Resources = splitList(resources)
		a.Environments = splitList(environments)
		a.Enabled = enabled != 0
		if a.RegisteredAt, err = time.Parse(time.RFC3339Nano, registeredAt); err != nil {
			return nil, fmt.Errorf("parsing registered_at: %w", err)
		}
		if a.LastHeard, err = time.Parse(time.RFC3339Nano, lastHeard); err != nil {
			return nil, fmt.Errorf("parsing last_heard: %w", err)
		}
		agents = append(agents, &a)
	}
	return agents, rows.Err()
}

// DeleteAgent removes an agent record. Deleting an unknown agent is not an error.
func (s *SQLiteStore) DeleteAgent(ctx context.Context, uuid string) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM agents WHERE uuid = ?`, uuid); err != nil {
		return fmt.Errorf("deleting agent: %w", err)
	}
	return nil
}

// SaveChecksums replaces the checksum record for a build.
func (s *SQLiteStore) SaveChecksums(ctx context.Context, buildID int64, record *checksum.Record) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("beginning transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx, `DELETE FROM checksums WHERE build_id = ?`, buildID); err != nil {
		return fmt.Errorf("clearing checksums: %w", err)
	}
	for path, digest := range record.Digests {
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO checksums (build_id, path, digest, algorithm) VALUES (?, ?, ?, ?)`,
			buildID, path, digest, string(record.Algorithm),
		); err != nil {
			return fmt.Errorf("inserting checksum: %w", err)
		}
	}
	return tx.Commit()
}

// GetChecksums returns the record for a build, or ErrNotFound if the agent never sent one.
func (s *SQLiteStore) GetChecksums(ctx context.Context, buildID int64) (*checksum.Record, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT path, digest, algorithm FROM checksums WHERE build_id = ?`, buildID)
	if err != nil {
		return nil, fmt.Errorf("querying checksums: %w", err)
	}
	defer rows.Close()

	var record *checksum.Record
	for rows.Next() {
		var path, digest, algorithm string
		if err := rows.Scan(&path, &digest, &algorithm); err != nil {
			return nil, fmt.Errorf("scanning checksum: %w", err)
		}
		if record == nil {
			record = checksum.NewRecord(checksum.Algorithm(algorithm))
		}
		record.Digests[path] = digest
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	if record == nil {
		return nil, ErrNotFound
	}
	return record, nil
}

// SaveEvent appends an event to the ledger.
func (s *SQLiteStore) SaveEvent(ctx context.Context, event *events.Event) error {
	var jobJSON any
	if !event.Job.IsZero() {
		b, err := json.Marshal(event.Job)
		if err != nil {
			return fmt.Errorf("encoding job: %w", err)
		}
		jobJSON = string(b)
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO ledger_events (event_id, type, topic, agent_uuid, job_json, state, result, message, timestamp)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		event.ID, string(event.Type), string(event.Topic), nullString(event.AgentUUID), jobJSON,
		nullString(event.State), nullString(string(event.Result)), nullString(event.Message),
		formatTime(event.Timestamp),
	)
	if err != nil {
		return fmt.Errorf("inserting event: %w", err)
	}
	return nil
}

// ListEvents returns the most recent events, newest first.
func (s *SQLiteStore) ListEvents(ctx context.Context, limit int) ([]*events.Event, error) {
	if limit <= 0 || limit > 500 {
		limit = 50
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT event_id, type, topic, agent_uuid, job_json, state, result, message, timestamp
		FROM ledger_events ORDER BY timestamp DESC, rowid DESC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("querying events: %w", err)
	}
	defer rows.Close()

	var out []*events.Event
	for rows.Next() {
		var (
			ev                                     events.Event
			typ, topic, ts                         string
			agentUUID, jobJSON, state, result, msg sql.NullString
		)
		if err := rows.Scan(&ev.ID, &typ, &topic, &agentUUID, &jobJSON, &state, &result, &msg, &ts); err != nil {
			return nil, fmt.Errorf("scanning event: %w", err)
		}
		ev.Type = events.Type(typ)
		ev.Topic = events.Topic(topic)
		ev.AgentUUID = agentUUID.String
		ev.State = state.String
		ev.Result = work.Result(result.String)
		ev.Message = msg.String
		if jobJSON.Valid {
			if err := json.Unmarshal([]byte(jobJSON.String), &ev.Job); err != nil {
				return nil, fmt.Errorf("decoding job: %w", err)
			}
		}
		if ev.Timestamp, err = time.Parse(time.RFC3339Nano, ts); err != nil {
			return nil, fmt.Errorf("parsing timestamp: %w", err)
		}
		out = append(out, &ev)
	}
	return out, rows.Err()
}

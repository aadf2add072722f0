package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	_ "modernc.org/sqlite"
)

// SQLiteStore is a SQLite-backed CheckpointStore (pure Go, no cgo, via
// modernc.org/sqlite). Intended for development, single-process
// deployments, and the replay tool's offline verification runs.
type SQLiteStore struct {
	db     *sql.DB
	mu     sync.RWMutex
	closed bool
	path   string
}

// NewSQLiteStore opens (creating if absent) a SQLite-backed store at
// path. Use ":memory:" for an ephemeral in-process database.
func NewSQLiteStore(path string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open SQLite connection: %w", err)
	}

	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(0)

	ctx := context.Background()
	if _, err := db.ExecContext(ctx, "PRAGMA journal_mode=WAL"); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to enable WAL mode: %w", err)
	}
	if _, err := db.ExecContext(ctx, "PRAGMA foreign_keys=ON"); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to enable foreign keys: %w", err)
	}
	if _, err := db.ExecContext(ctx, "PRAGMA busy_timeout=5000"); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to set busy timeout: %w", err)
	}

	s := &SQLiteStore{db: db, path: path}
	if err := s.Initialize(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

// Initialize creates the runs/steps/activities schema (spec §6) if it
// does not already exist.
func (s *SQLiteStore) Initialize(ctx context.Context) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS runs (
			trace_id TEXT PRIMARY KEY,
			graph_id TEXT NOT NULL,
			graph_version TEXT NOT NULL,
			status TEXT NOT NULL,
			started_at TIMESTAMP NOT NULL,
			finished_at TIMESTAMP NULL,
			error TEXT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_runs_status ON runs(status)`,
		`CREATE INDEX IF NOT EXISTS idx_runs_graph_id ON runs(graph_id)`,
		`CREATE INDEX IF NOT EXISTS idx_runs_started_at ON runs(started_at)`,
		`CREATE TABLE IF NOT EXISTS steps (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			trace_id TEXT NOT NULL REFERENCES runs(trace_id) ON DELETE CASCADE,
			step_index INTEGER NOT NULL,
			node_id TEXT NOT NULL,
			state_hash_before TEXT NOT NULL,
			input_hash TEXT NOT NULL,
			output_hash TEXT NOT NULL,
			state_hash_after TEXT NOT NULL,
			next_edge TEXT NULL,
			started_at TIMESTAMP NOT NULL,
			finished_at TIMESTAMP NOT NULL,
			duration_ms INTEGER NOT NULL,
			error TEXT NULL,
			UNIQUE(trace_id, step_index)
		)`,
		`CREATE INDEX IF NOT EXISTS idx_steps_trace_step ON steps(trace_id, step_index)`,
		`CREATE TABLE IF NOT EXISTS activities (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			trace_id TEXT NOT NULL,
			step_index INTEGER NOT NULL,
			activity_type TEXT NOT NULL,
			request_hash TEXT NOT NULL,
			response_data TEXT NULL,
			blob_ref TEXT NULL,
			started_at TIMESTAMP NOT NULL,
			finished_at TIMESTAMP NOT NULL,
			duration_ms INTEGER NOT NULL,
			error TEXT NULL,
			UNIQUE(trace_id, step_index, activity_type, request_hash),
			FOREIGN KEY(trace_id, step_index) REFERENCES steps(trace_id, step_index)
		)`,
		`CREATE INDEX IF NOT EXISTS idx_activities_trace_step ON activities(trace_id, step_index)`,
	}
	for _, stmt := range stmts {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("failed to apply schema statement: %w", err)
		}
	}
	return nil
}

func (s *SQLiteStore) SaveRun(ctx context.Context, run Run) error {
	if s.isClosed() {
		return fmt.Errorf("store is closed")
	}

	errJSON, err := marshalErrPtr(run.Error)
	if err != nil {
		return err
	}

	var finishedAt interface{}
	if run.FinishedAt != nil {
		finishedAt = run.FinishedAt.Format(time.RFC3339Nano)
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO runs (trace_id, graph_id, graph_version, status, started_at, finished_at, error)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(trace_id) DO UPDATE SET
			graph_id = excluded.graph_id,
			graph_version = excluded.graph_version,
			status = excluded.status,
			started_at = excluded.started_at,
			finished_at = excluded.finished_at,
			error = excluded.error
	`, run.TraceID, run.GraphID, run.GraphVersion, run.Status,
		run.StartedAt.Format(time.RFC3339Nano), finishedAt, errJSON)
	if err != nil {
		return fmt.Errorf("failed to save run: %w", err)
	}
	return nil
}

func (s *SQLiteStore) GetRun(ctx context.Context, traceID string) (Run, error) {
	if s.isClosed() {
		return Run{}, fmt.Errorf("store is closed")
	}

	var (
		run           Run
		startedAtStr  string
		finishedAtStr sql.NullString
		errJSON       sql.NullString
	)
	err := s.db.QueryRowContext(ctx, `
		SELECT trace_id, graph_id, graph_version, status, started_at, finished_at, error
		FROM runs WHERE trace_id = ?
	`, traceID).Scan(&run.TraceID, &run.GraphID, &run.GraphVersion, &run.Status, &startedAtStr, &finishedAtStr, &errJSON)
	if err == sql.ErrNoRows {
		return Run{}, ErrNotFound
	}
	if err != nil {
		return Run{}, fmt.Errorf("failed to load run: %w", err)
	}
	run.StartedAt, err = time.Parse(time.RFC3339Nano, startedAtStr)
	if err != nil {
		return Run{}, fmt.Errorf("failed to parse started_at: %w", err)
	}
	if finishedAtStr.Valid {
		t, err := time.Parse(time.RFC3339Nano, finishedAtStr.String)
		if err != nil {
			return Run{}, fmt.Errorf("failed to parse finished_at: %w", err)
		}
		run.FinishedAt = &t
	}
	if errJSON.Valid {
		run.Error, err = unmarshalErrPtr(errJSON.String)
		if err != nil {
			return Run{}, err
		}
	}
	return run, nil
}

func (s *SQLiteStore) UpdateRunStatus(ctx context.Context, traceID, status string, errRec *ErrorRecord) error {
	if s.isClosed() {
		return fmt.Errorf("store is closed")
	}

	var currentStatus string
	err := s.db.QueryRowContext(ctx, `SELECT status FROM runs WHERE trace_id = ?`, traceID).Scan(&currentStatus)
	if err == sql.ErrNoRows {
		return ErrNotFound
	}
	if err != nil {
		return fmt.Errorf("failed to load current run status: %w", err)
	}
	if err := validateTransition(currentStatus, status); err != nil {
		return err
	}

	errJSON, err := marshalErrPtr(errRec)
	if err != nil {
		return err
	}

	var finishedAt interface{}
	if isTerminalStatus(status) {
		finishedAt = time.Now().Format(time.RFC3339Nano)
	}

	_, err = s.db.ExecContext(ctx, `
		UPDATE runs SET status = ?, error = ?, finished_at = COALESCE(?, finished_at)
		WHERE trace_id = ?
	`, status, errJSON, finishedAt, traceID)
	if err != nil {
		return fmt.Errorf("failed to update run status: %w", err)
	}
	return nil
}

func (s *SQLiteStore) SaveStep(ctx context.Context, step Step) error {
	if s.isClosed() {
		return fmt.Errorf("store is closed")
	}

	var existingHash string
	err := s.db.QueryRowContext(ctx, `
		SELECT state_hash_after FROM steps WHERE trace_id = ? AND step_index = ?
	`, step.TraceID, step.StepIndex).Scan(&existingHash)
	if err == nil {
		if existingHash != step.StateHashAfter {
			return ErrDivergence
		}
		return nil
	}
	if err != sql.ErrNoRows {
		return fmt.Errorf("failed to check existing step: %w", err)
	}

	errJSON, err := marshalErrPtr(step.Error)
	if err != nil {
		return err
	}

	var nextEdge interface{}
	if step.NextEdge != nil {
		nextEdge = *step.NextEdge
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO steps
		(trace_id, step_index, node_id, state_hash_before, input_hash, output_hash, state_hash_after,
		 next_edge, started_at, finished_at, duration_ms, error)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, step.TraceID, step.StepIndex, step.NodeID, step.StateHashBefore, step.InputHash,
		step.OutputHash, step.StateHashAfter, nextEdge,
		step.StartedAt.Format(time.RFC3339Nano), step.FinishedAt.Format(time.RFC3339Nano),
		step.DurationMs, errJSON)
	if err != nil {
		return fmt.Errorf("failed to save step: %w", err)
	}
	return nil
}

func (s *SQLiteStore) GetLastStep(ctx context.Context, traceID string) (Step, error) {
	if s.isClosed() {
		return Step{}, fmt.Errorf("store is closed")
	}

	row := s.db.QueryRowContext(ctx, `
		SELECT trace_id, step_index, node_id, state_hash_before, input_hash, output_hash, state_hash_after,
		       next_edge, started_at, finished_at, duration_ms, error
		FROM steps WHERE trace_id = ? ORDER BY step_index DESC LIMIT 1
	`, traceID)
	step, err := scanStep(row)
	if err == sql.ErrNoRows {
		return Step{}, ErrNotFound
	}
	return step, err
}

func (s *SQLiteStore) GetAllSteps(ctx context.Context, traceID string) ([]Step, error) {
	if s.isClosed() {
		return nil, fmt.Errorf("store is closed")
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT trace_id, step_index, node_id, state_hash_before, input_hash, output_hash, state_hash_after,
		       next_edge, started_at, finished_at, duration_ms, error
		FROM steps WHERE trace_id = ? ORDER BY step_index ASC
	`, traceID)
	if err != nil {
		return nil, fmt.Errorf("failed to query steps: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []Step
	for rows.Next() {
		step, err := scanStep(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, step)
	}
	return out, rows.Err()
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanStep(row rowScanner) (Step, error) {
	var (
		step         Step
		nextEdge     sql.NullString
		startedAtStr string
		finishedAtStr string
		errJSON      sql.NullString
	)
	if err := row.Scan(&step.TraceID, &step.StepIndex, &step.NodeID, &step.StateHashBefore,
		&step.InputHash, &step.OutputHash, &step.StateHashAfter, &nextEdge,
		&startedAtStr, &finishedAtStr, &step.DurationMs, &errJSON); err != nil {
		return Step{}, err
	}
	if nextEdge.Valid {
		v := nextEdge.String
		step.NextEdge = &v
	}
	var err error
	step.StartedAt, err = time.Parse(time.RFC3339Nano, startedAtStr)
	if err != nil {
		return Step{}, fmt.Errorf("failed to parse started_at: %w", err)
	}
	step.FinishedAt, err = time.Parse(time.RFC3339Nano, finishedAtStr)
	if err != nil {
		return Step{}, fmt.Errorf("failed to parse finished_at: %w", err)
	}
	if errJSON.Valid {
		step.Error, err = unmarshalErrPtr(errJSON.String)
		if err != nil {
			return Step{}, err
		}
	}
	return step, nil
}

func (s *SQLiteStore) SaveActivity(ctx context.Context, activity Activity) error {
	if s.isClosed() {
		return fmt.Errorf("store is closed")
	}

	errJSON, err := marshalErrPtr(activity.Error)
	if err != nil {
		return err
	}

	var responseData interface{}
	if activity.ResponseData != nil {
		responseData = string(activity.ResponseData)
	}
	var blobRef interface{}
	if activity.BlobRef != "" {
		blobRef = activity.BlobRef
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO activities
		(trace_id, step_index, activity_type, request_hash, response_data, blob_ref,
		 started_at, finished_at, duration_ms, error)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(trace_id, step_index, activity_type, request_hash) DO NOTHING
	`, activity.TraceID, activity.StepIndex, activity.ActivityType, activity.RequestHash,
		responseData, blobRef, activity.StartedAt.Format(time.RFC3339Nano),
		activity.FinishedAt.Format(time.RFC3339Nano), activity.DurationMs, errJSON)
	if err != nil {
		return fmt.Errorf("failed to save activity: %w", err)
	}
	return nil
}

func (s *SQLiteStore) GetActivity(ctx context.Context, traceID string, stepIndex int, activityType, requestHash string) (Activity, error) {
	if s.isClosed() {
		return Activity{}, fmt.Errorf("store is closed")
	}

	row := s.db.QueryRowContext(ctx, `
		SELECT trace_id, step_index, activity_type, request_hash, response_data, blob_ref,
		       started_at, finished_at, duration_ms, error
		FROM activities WHERE trace_id = ? AND step_index = ? AND activity_type = ? AND request_hash = ?
	`, traceID, stepIndex, activityType, requestHash)
	a, err := scanActivity(row)
	if err == sql.ErrNoRows {
		return Activity{}, ErrNotFound
	}
	return a, err
}

func (s *SQLiteStore) GetActivitiesForStep(ctx context.Context, traceID string, stepIndex int) ([]Activity, error) {
	if s.isClosed() {
		return nil, fmt.Errorf("store is closed")
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT trace_id, step_index, activity_type, request_hash, response_data, blob_ref,
		       started_at, finished_at, duration_ms, error
		FROM activities WHERE trace_id = ? AND step_index = ? ORDER BY id ASC
	`, traceID, stepIndex)
	if err != nil {
		return nil, fmt.Errorf("failed to query activities: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []Activity
	for rows.Next() {
		a, err := scanActivity(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

func scanActivity(row rowScanner) (Activity, error) {
	var (
		a             Activity
		responseData  sql.NullString
		blobRef       sql.NullString
		startedAtStr  string
		finishedAtStr string
		errJSON       sql.NullString
	)
	if err := row.Scan(&a.TraceID, &a.StepIndex, &a.ActivityType, &a.RequestHash,
		&responseData, &blobRef, &startedAtStr, &finishedAtStr, &a.DurationMs, &errJSON); err != nil {
		return Activity{}, err
	}
	if responseData.Valid {
		a.ResponseData = []byte(responseData.String)
	}
	if blobRef.Valid {
		a.BlobRef = blobRef.String
	}
	var err error
	a.StartedAt, err = time.Parse(time.RFC3339Nano, startedAtStr)
	if err != nil {
		return Activity{}, fmt.Errorf("failed to parse started_at: %w", err)
	}
	a.FinishedAt, err = time.Parse(time.RFC3339Nano, finishedAtStr)
	if err != nil {
		return Activity{}, fmt.Errorf("failed to parse finished_at: %w", err)
	}
	if errJSON.Valid {
		a.Error, err = unmarshalErrPtr(errJSON.String)
		if err != nil {
			return Activity{}, err
		}
	}
	return a, nil
}

func (s *SQLiteStore) HealthCheck(ctx context.Context) (Health, error) {
	start := time.Now()
	if s.isClosed() {
		return Health{Healthy: false, Detail: "store is closed"}, nil
	}
	if err := s.db.PingContext(ctx); err != nil {
		return Health{Healthy: false, Detail: err.Error()}, nil
	}
	return Health{Healthy: true, RoundTripMs: time.Since(start).Milliseconds()}, nil
}

func (s *SQLiteStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	return s.db.Close()
}

func (s *SQLiteStore) isClosed() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.closed
}

func marshalErrPtr(e *ErrorRecord) (interface{}, error) {
	if e == nil {
		return nil, nil
	}
	data, err := json.Marshal(e)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal error record: %w", err)
	}
	return string(data), nil
}

func unmarshalErrPtr(s string) (*ErrorRecord, error) {
	if s == "" {
		return nil, nil
	}
	var e ErrorRecord
	if err := json.Unmarshal([]byte(s), &e); err != nil {
		return nil, fmt.Errorf("failed to unmarshal error record: %w", err)
	}
	return &e, nil
}

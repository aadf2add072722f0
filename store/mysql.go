package store

import (
	"context"
	"database/sql"
	"fmt"
	"sync"
	"time"

	_ "github.com/go-sql-driver/mysql"
)

// MySQLStore is a MySQL/MariaDB-backed CheckpointStore, for production
// deployments where multiple worker processes share one durable ledger
// (spec §5: "checkpoint store shared across workers, mutual exclusion
// per run via unique constraints").
type MySQLStore struct {
	db     *sql.DB
	mu     sync.RWMutex
	closed bool
}

// NewMySQLStore opens a MySQL-backed store using the given DSN, e.g.
// "user:pass@tcp(127.0.0.1:3306)/elg?parseTime=true". Never hardcode
// credentials; read the DSN from configuration (internal/config).
func NewMySQLStore(dsn string) (*MySQLStore, error) {
	db, err := sql.Open("mysql", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open MySQL connection: %w", err)
	}

	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(5 * time.Minute)
	db.SetConnMaxIdleTime(10 * time.Minute)

	ctx := context.Background()
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to ping MySQL: %w", err)
	}

	s := &MySQLStore{db: db}
	if err := s.Initialize(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

// Initialize creates the runs/steps/activities schema (spec §6) if it
// does not already exist.
func (s *MySQLStore) Initialize(ctx context.Context) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS runs (
			trace_id VARCHAR(255) PRIMARY KEY,
			graph_id VARCHAR(255) NOT NULL,
			graph_version VARCHAR(64) NOT NULL,
			status VARCHAR(32) NOT NULL,
			started_at DATETIME(6) NOT NULL,
			finished_at DATETIME(6) NULL,
			error JSON NULL,
			INDEX idx_runs_status (status),
			INDEX idx_runs_graph_id (graph_id),
			INDEX idx_runs_started_at (started_at)
		) ENGINE=InnoDB`,
		`CREATE TABLE IF NOT EXISTS steps (
			id BIGINT AUTO_INCREMENT PRIMARY KEY,
			trace_id VARCHAR(255) NOT NULL,
			step_index INT NOT NULL,
			node_id VARCHAR(255) NOT NULL,
			state_hash_before CHAR(64) NOT NULL,
			input_hash CHAR(64) NOT NULL,
			output_hash CHAR(64) NOT NULL,
			state_hash_after CHAR(64) NOT NULL,
			next_edge VARCHAR(255) NULL,
			started_at DATETIME(6) NOT NULL,
			finished_at DATETIME(6) NOT NULL,
			duration_ms BIGINT NOT NULL,
			error JSON NULL,
			UNIQUE KEY uq_steps_trace_step (trace_id, step_index),
			CONSTRAINT fk_steps_run FOREIGN KEY (trace_id) REFERENCES runs(trace_id) ON DELETE CASCADE
		) ENGINE=InnoDB`,
		`CREATE TABLE IF NOT EXISTS activities (
			id BIGINT AUTO_INCREMENT PRIMARY KEY,
			trace_id VARCHAR(255) NOT NULL,
			step_index INT NOT NULL,
			activity_type VARCHAR(32) NOT NULL,
			request_hash CHAR(64) NOT NULL,
			response_data JSON NULL,
			blob_ref VARCHAR(1024) NULL,
			started_at DATETIME(6) NOT NULL,
			finished_at DATETIME(6) NOT NULL,
			duration_ms BIGINT NOT NULL,
			error JSON NULL,
			UNIQUE KEY uq_activities_idempotency (trace_id, step_index, activity_type, request_hash),
			INDEX idx_activities_trace_step (trace_id, step_index),
			CONSTRAINT fk_activities_step FOREIGN KEY (trace_id, step_index) REFERENCES steps(trace_id, step_index)
		) ENGINE=InnoDB`,
	}
	for _, stmt := range stmts {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("failed to apply schema statement: %w", err)
		}
	}
	return nil
}

func (s *MySQLStore) SaveRun(ctx context.Context, run Run) error {
	if s.isClosed() {
		return fmt.Errorf("store is closed")
	}

	errJSON, err := marshalErrPtr(run.Error)
	if err != nil {
		return err
	}
	var finishedAt interface{}
	if run.FinishedAt != nil {
		finishedAt = *run.FinishedAt
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO runs (trace_id, graph_id, graph_version, status, started_at, finished_at, error)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON DUPLICATE KEY UPDATE
			graph_id = VALUES(graph_id),
			graph_version = VALUES(graph_version),
			status = VALUES(status),
			started_at = VALUES(started_at),
			finished_at = VALUES(finished_at),
			error = VALUES(error)
	`, run.TraceID, run.GraphID, run.GraphVersion, run.Status, run.StartedAt, finishedAt, errJSON)
	if err != nil {
		return fmt.Errorf("failed to save run: %w", err)
	}
	return nil
}

func (s *MySQLStore) GetRun(ctx context.Context, traceID string) (Run, error) {
	if s.isClosed() {
		return Run{}, fmt.Errorf("store is closed")
	}
	var (
		run        Run
		finishedAt sql.NullTime
		errJSON    sql.NullString
	)
	err := s.db.QueryRowContext(ctx, `
		SELECT trace_id, graph_id, graph_version, status, started_at, finished_at, error
		FROM runs WHERE trace_id = ?
	`, traceID).Scan(&run.TraceID, &run.GraphID, &run.GraphVersion, &run.Status, &run.StartedAt, &finishedAt, &errJSON)
	if err == sql.ErrNoRows {
		return Run{}, ErrNotFound
	}
	if err != nil {
		return Run{}, fmt.Errorf("failed to load run: %w", err)
	}
	if finishedAt.Valid {
		run.FinishedAt = &finishedAt.Time
	}
	if errJSON.Valid {
		rec, err := unmarshalErrPtr(errJSON.String)
		if err != nil {
			return Run{}, err
		}
		run.Error = rec
	}
	return run, nil
}

func (s *MySQLStore) UpdateRunStatus(ctx context.Context, traceID, status string, errRec *ErrorRecord) error {
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
		finishedAt = time.Now()
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

func (s *MySQLStore) SaveStep(ctx context.Context, step Step) error {
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
		step.OutputHash, step.StateHashAfter, nextEdge, step.StartedAt, step.FinishedAt,
		step.DurationMs, errJSON)
	if err != nil {
		return fmt.Errorf("failed to save step: %w", err)
	}
	return nil
}

func (s *MySQLStore) GetLastStep(ctx context.Context, traceID string) (Step, error) {
	if s.isClosed() {
		return Step{}, fmt.Errorf("store is closed")
	}
	row := s.db.QueryRowContext(ctx, `
		SELECT trace_id, step_index, node_id, state_hash_before, input_hash, output_hash, state_hash_after,
		       next_edge, started_at, finished_at, duration_ms, error
		FROM steps WHERE trace_id = ? ORDER BY step_index DESC LIMIT 1
	`, traceID)
	step, err := scanStepTimed(row)
	if err == sql.ErrNoRows {
		return Step{}, ErrNotFound
	}
	return step, err
}

func (s *MySQLStore) GetAllSteps(ctx context.Context, traceID string) ([]Step, error) {
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
		step, err := scanStepTimed(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, step)
	}
	return out, rows.Err()
}

// scanStepTimed scans a steps row using MySQL's native time.Time
// scanning (via parseTime=true in the DSN) rather than the RFC3339Nano
// string parsing sqlite.go's scanStep needs for SQLite's TEXT columns.
func scanStepTimed(row rowScanner) (Step, error) {
	var (
		step     Step
		nextEdge sql.NullString
		errJSON  sql.NullString
	)
	if err := row.Scan(&step.TraceID, &step.StepIndex, &step.NodeID, &step.StateHashBefore,
		&step.InputHash, &step.OutputHash, &step.StateHashAfter, &nextEdge,
		&step.StartedAt, &step.FinishedAt, &step.DurationMs, &errJSON); err != nil {
		return Step{}, err
	}
	if nextEdge.Valid {
		v := nextEdge.String
		step.NextEdge = &v
	}
	if errJSON.Valid {
		rec, err := unmarshalErrPtr(errJSON.String)
		if err != nil {
			return Step{}, err
		}
		step.Error = rec
	}
	return step, nil
}

func (s *MySQLStore) SaveActivity(ctx context.Context, activity Activity) error {
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
		INSERT IGNORE INTO activities
		(trace_id, step_index, activity_type, request_hash, response_data, blob_ref,
		 started_at, finished_at, duration_ms, error)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, activity.TraceID, activity.StepIndex, activity.ActivityType, activity.RequestHash,
		responseData, blobRef, activity.StartedAt, activity.FinishedAt, activity.DurationMs, errJSON)
	if err != nil {
		return fmt.Errorf("failed to save activity: %w", err)
	}
	return nil
}

func (s *MySQLStore) GetActivity(ctx context.Context, traceID string, stepIndex int, activityType, requestHash string) (Activity, error) {
	if s.isClosed() {
		return Activity{}, fmt.Errorf("store is closed")
	}
	row := s.db.QueryRowContext(ctx, `
		SELECT trace_id, step_index, activity_type, request_hash, response_data, blob_ref,
		       started_at, finished_at, duration_ms, error
		FROM activities WHERE trace_id = ? AND step_index = ? AND activity_type = ? AND request_hash = ?
	`, traceID, stepIndex, activityType, requestHash)
	a, err := scanActivityTimed(row)
	if err == sql.ErrNoRows {
		return Activity{}, ErrNotFound
	}
	return a, err
}

func (s *MySQLStore) GetActivitiesForStep(ctx context.Context, traceID string, stepIndex int) ([]Activity, error) {
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
		a, err := scanActivityTimed(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

func scanActivityTimed(row rowScanner) (Activity, error) {
	var (
		a            Activity
		responseData sql.NullString
		blobRef      sql.NullString
		errJSON      sql.NullString
	)
	if err := row.Scan(&a.TraceID, &a.StepIndex, &a.ActivityType, &a.RequestHash,
		&responseData, &blobRef, &a.StartedAt, &a.FinishedAt, &a.DurationMs, &errJSON); err != nil {
		return Activity{}, err
	}
	if responseData.Valid {
		a.ResponseData = []byte(responseData.String)
	}
	if blobRef.Valid {
		a.BlobRef = blobRef.String
	}
	if errJSON.Valid {
		rec, err := unmarshalErrPtr(errJSON.String)
		if err != nil {
			return Activity{}, err
		}
		a.Error = rec
	}
	return a, nil
}

func (s *MySQLStore) HealthCheck(ctx context.Context) (Health, error) {
	start := time.Now()
	if s.isClosed() {
		return Health{Healthy: false, Detail: "store is closed"}, nil
	}
	if err := s.db.PingContext(ctx); err != nil {
		return Health{Healthy: false, Detail: err.Error()}, nil
	}
	return Health{Healthy: true, RoundTripMs: time.Since(start).Milliseconds()}, nil
}

func (s *MySQLStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	return s.db.Close()
}

func (s *MySQLStore) isClosed() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.closed
}

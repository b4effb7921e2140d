package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/gradewise/gradewise-api/internal/job"
	"github.com/gradewise/gradewise-api/internal/platform/logger"
	"github.com/gradewise/gradewise-api/internal/store"
)

// jobColumns is the select list shared by every read path.
const jobColumns = `id, job_type, state, entity_kind, entity_id, payload, priority,
	worker_id, attempt_count, result, error_message, next_retry_at, submitted_at,
	started_at, completed_at, updated_at`

// JobStore implements the job.Ledger interface using PostgreSQL.
// Per-job-ID rows are the unit of consistency for the whole orchestration
// layer: the monotonic state-machine guard lives in the conditional UPDATE
// of Transition, so concurrent writers race safely.
type JobStore struct {
	db store.DBTX
}

// NewJobStore creates a new JobStore.
func NewJobStore(db store.DBTX) *JobStore {
	return &JobStore{db: db}
}

// WithTx returns a JobStore bound to the provided transaction.
func (s *JobStore) WithTx(tx *sql.Tx) job.Ledger {
	return &JobStore{db: tx}
}

// Create persists a new record in Pending state.
func (s *JobStore) Create(ctx context.Context, params job.CreateParams) (*job.Record, error) {
	log := logger.FromContext(ctx)

	now := time.Now().UTC()

	var entityKind sql.NullString
	var entityID uuid.NullUUID
	if params.Entity != nil {
		entityKind = sql.NullString{String: params.Entity.Kind, Valid: true}
		entityID = uuid.NullUUID{UUID: params.Entity.ID, Valid: true}
	}

	// No conflict target: both a reused job ID and a second active record
	// for the same entity surface as zero rows, reported as ErrJobExists.
	query := `
		INSERT INTO jobs (id, job_type, state, entity_kind, entity_id, payload, priority, submitted_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $8)
		ON CONFLICT DO NOTHING
		RETURNING ` + jobColumns

	row := s.db.QueryRowContext(ctx, query,
		params.JobID,
		params.JobType,
		job.StatePending,
		entityKind,
		entityID,
		[]byte(params.Payload),
		params.Priority,
		now,
	)

	rec, err := scanRecord(row)
	if err == sql.ErrNoRows {
		return nil, store.ErrJobExists
	}
	if err != nil {
		log.Error("failed to create job record",
			"job_id", params.JobID,
			"job_type", params.JobType,
			"error", err)
		return nil, store.NewStoreError("job", "create", "insert failed", err)
	}

	return rec, nil
}

// Get returns the record for the given job ID.
func (s *JobStore) Get(ctx context.Context, jobID uuid.UUID) (*job.Record, error) {
	query := `SELECT ` + jobColumns + ` FROM jobs WHERE id = $1`

	rec, err := scanRecord(s.db.QueryRowContext(ctx, query, jobID))
	if err == sql.ErrNoRows {
		return nil, store.ErrJobNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get job record: %w", err)
	}
	return rec, nil
}

// Payload returns the submission payload stored with the record.
func (s *JobStore) Payload(ctx context.Context, jobID uuid.UUID) (json.RawMessage, error) {
	var payload []byte
	err := s.db.QueryRowContext(ctx, `SELECT payload FROM jobs WHERE id = $1`, jobID).Scan(&payload)
	if err == sql.ErrNoRows {
		return nil, store.ErrJobNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get job payload: %w", err)
	}
	return json.RawMessage(payload), nil
}

// Transition moves the record to newState, applying changes atomically.
//
// The UPDATE's WHERE clause carries the state-machine guard, so of two
// workers racing to claim the same job exactly one write lands; the loser
// gets zero rows back, observes the current state, and no-ops.
func (s *JobStore) Transition(
	ctx context.Context,
	jobID uuid.UUID,
	newState job.State,
	changes job.TransitionChanges,
) (*job.Record, error) {
	log := logger.FromContext(ctx)

	now := time.Now().UTC()

	sets := []string{"state = $1", "updated_at = $2"}
	args := []any{newState, now}

	if newState == job.StateRunning {
		sets = append(sets, "started_at = COALESCE(started_at, $2)")
	}
	if newState.Terminal() {
		sets = append(sets, "completed_at = COALESCE(completed_at, $2)")
	}

	addArg := func(clause string, v any) {
		args = append(args, v)
		sets = append(sets, fmt.Sprintf(clause, len(args)))
	}
	if changes.WorkerID != nil {
		addArg("worker_id = $%d", *changes.WorkerID)
	}
	if changes.AttemptCount != nil {
		addArg("attempt_count = $%d", *changes.AttemptCount)
	}
	if changes.Result != nil {
		addArg("result = $%d", []byte(changes.Result))
	}
	if changes.ErrorMessage != nil {
		addArg("error_message = $%d", *changes.ErrorMessage)
	}
	if changes.NextRetryAt != nil {
		addArg("next_retry_at = $%d", *changes.NextRetryAt)
	}

	args = append(args, jobID)
	query := fmt.Sprintf(`
		UPDATE jobs
		SET %s
		WHERE id = $%d AND state IN (%s)
		RETURNING %s`,
		strings.Join(sets, ", "),
		len(args),
		stateList(job.ValidFrom(newState)),
		jobColumns,
	)

	rec, err := scanRecord(s.db.QueryRowContext(ctx, query, args...))
	if err == nil {
		return rec, nil
	}
	if err != sql.ErrNoRows {
		log.Error("failed to transition job record",
			"job_id", jobID,
			"new_state", newState,
			"error", err)
		return nil, store.NewStoreError("job", "transition", "conditional update failed", err)
	}

	// The guard rejected the write. Distinguish missing record, idempotent
	// re-application, and a genuinely invalid transition.
	current, err := s.Get(ctx, jobID)
	if err != nil {
		return nil, err
	}
	if current.State == newState || (current.State.Terminal() && newState.Terminal()) {
		log.Debug("transition is a no-op",
			"job_id", jobID,
			"state", current.State,
			"requested", newState)
		return current, nil
	}
	return nil, fmt.Errorf("%w: %s -> %s for job %s",
		job.ErrInvalidTransition, current.State, newState, jobID)
}

// Find returns records matching the query, ordered by submission time.
func (s *JobStore) Find(ctx context.Context, q job.Query) ([]*job.Record, error) {
	where := []string{"TRUE"}
	var args []any

	addArg := func(clause string, v any) {
		args = append(args, v)
		where = append(where, fmt.Sprintf(clause, len(args)))
	}

	if len(q.States) > 0 {
		where = append(where, "state IN ("+stateList(q.States)+")")
	}
	if q.JobType != "" {
		addArg("job_type = $%d", q.JobType)
	}
	if q.Entity != nil {
		addArg("entity_kind = $%d", q.Entity.Kind)
		addArg("entity_id = $%d", q.Entity.ID)
	}
	if !q.StartedBefore.IsZero() {
		addArg("started_at < $%d", q.StartedBefore)
	}
	if !q.CreatedBefore.IsZero() {
		addArg("submitted_at < $%d", q.CreatedBefore)
	}

	query := `SELECT ` + jobColumns + ` FROM jobs WHERE ` +
		strings.Join(where, " AND ") + ` ORDER BY submitted_at ASC`
	if q.Limit > 0 {
		query += fmt.Sprintf(" LIMIT %d", q.Limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query job records: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var records []*job.Record
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan job record: %w", err)
		}
		records = append(records, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating job records: %w", err)
	}
	return records, nil
}

// FindActiveByEntity returns the non-terminal record acting on the entity.
func (s *JobStore) FindActiveByEntity(ctx context.Context, entity job.EntityRef) (*job.Record, error) {
	query := `
		SELECT ` + jobColumns + `
		FROM jobs
		WHERE entity_kind = $1 AND entity_id = $2
		  AND state IN (` + stateList([]job.State{job.StatePending, job.StateRunning, job.StateRetrying}) + `)
		ORDER BY submitted_at DESC
		LIMIT 1`

	rec, err := scanRecord(s.db.QueryRowContext(ctx, query, entity.Kind, entity.ID))
	if err == sql.ErrNoRows {
		return nil, store.ErrJobNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to find active job for entity: %w", err)
	}
	return rec, nil
}

// DeleteTerminalBefore removes terminal records completed before the cutoff.
func (s *JobStore) DeleteTerminalBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	log := logger.FromContext(ctx)

	query := `
		DELETE FROM jobs
		WHERE state IN (` + stateList([]job.State{job.StateSucceeded, job.StateFailed, job.StateCancelled}) + `)
		  AND completed_at < $1`

	result, err := s.db.ExecContext(ctx, query, cutoff)
	if err != nil {
		log.Error("failed to delete terminal job records", "cutoff", cutoff, "error", err)
		return 0, fmt.Errorf("failed to delete terminal job records: %w", err)
	}

	deleted, err := result.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("failed to get rows affected: %w", err)
	}
	return deleted, nil
}

// rowScanner is implemented by *sql.Row and *sql.Rows.
type rowScanner interface {
	Scan(dest ...any) error
}

// scanRecord maps one jobs row onto a job.Record.
func scanRecord(row rowScanner) (*job.Record, error) {
	var rec job.Record
	var entityKind sql.NullString
	var entityID uuid.NullUUID
	var payload []byte
	var result []byte
	var errorMessage sql.NullString
	var nextRetryAt, startedAt, completedAt sql.NullTime

	err := row.Scan(
		&rec.JobID,
		&rec.JobType,
		&rec.State,
		&entityKind,
		&entityID,
		&payload,
		&rec.Priority,
		&rec.WorkerID,
		&rec.AttemptCount,
		&result,
		&errorMessage,
		&nextRetryAt,
		&rec.SubmittedAt,
		&startedAt,
		&completedAt,
		&rec.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}

	if entityKind.Valid && entityID.Valid {
		rec.Entity = &job.EntityRef{Kind: entityKind.String, ID: entityID.UUID}
	}
	if result != nil {
		rec.Result = json.RawMessage(result)
	}
	rec.ErrorMessage = errorMessage.String
	if nextRetryAt.Valid {
		t := nextRetryAt.Time
		rec.NextRetryAt = &t
	}
	if startedAt.Valid {
		t := startedAt.Time
		rec.StartedAt = &t
	}
	if completedAt.Valid {
		t := completedAt.Time
		rec.CompletedAt = &t
	}
	return &rec, nil
}

// stateList renders states as a quoted SQL list. States are trusted
// constants, never user input.
func stateList(states []job.State) string {
	quoted := make([]string, len(states))
	for i, s := range states {
		quoted[i] = "'" + string(s) + "'"
	}
	return strings.Join(quoted, ", ")
}

var _ job.Ledger = (*JobStore)(nil)

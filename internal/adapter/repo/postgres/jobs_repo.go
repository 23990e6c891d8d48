package postgres

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"

	"github.com/Lucas-Song-Dev/INSIGHT/internal/domain"
)

// maxTransitionRetries bounds the backoff retry of transient storage errors
// inside UpdateJobState.
const maxTransitionRetries = 3

// JobRepo persists and loads jobs from PostgreSQL. Successful log appends are
// broadcast through the injected publisher.
type JobRepo struct {
	Pool      PgxPool
	Publisher domain.LogPublisher
}

// NewJobRepo constructs a JobRepo with the given pool and log publisher.
// Publisher may be nil when broadcast is not needed.
func NewJobRepo(p PgxPool, pub domain.LogPublisher) *JobRepo {
	return &JobRepo{Pool: p, Publisher: pub}
}

const jobColumns = `id, user_id, type, status, parameters, results, COALESCE(error,''), credits_used, created_at, started_at, completed_at, logs`

// CreateJob inserts a pending job and returns its id.
func (r *JobRepo) CreateJob(ctx domain.Context, userID string, typ domain.JobType, params domain.JobParameters) (string, error) {
	tracer := otel.Tracer("repo.jobs")
	ctx, span := tracer.Start(ctx, "jobs.CreateJob")
	defer span.End()
	span.SetAttributes(
		attribute.String("db.system", "postgresql"),
		attribute.String("db.sql.table", "jobs"),
		attribute.String("job.type", string(typ)),
	)
	id := uuid.New().String()
	paramsJSON, err := json.Marshal(params)
	if err != nil {
		return "", fmt.Errorf("op=job.create.marshal: %w", err)
	}
	q := `INSERT INTO jobs (id, user_id, type, status, parameters, created_at, logs) VALUES ($1,$2,$3,$4,$5,$6,'[]')`
	if _, err := r.Pool.Exec(ctx, q, id, userID, typ, domain.JobPending, paramsJSON, time.Now().UTC()); err != nil {
		return "", fmt.Errorf("op=job.create: %w", err)
	}
	return id, nil
}

// GetJob loads a job (logs included) by id.
func (r *JobRepo) GetJob(ctx domain.Context, id string) (domain.Job, error) {
	tracer := otel.Tracer("repo.jobs")
	ctx, span := tracer.Start(ctx, "jobs.GetJob")
	defer span.End()
	span.SetAttributes(
		attribute.String("db.system", "postgresql"),
		attribute.String("db.sql.table", "jobs"),
	)
	q := `SELECT ` + jobColumns + ` FROM jobs WHERE id=$1`
	j, err := scanJob(r.Pool.QueryRow(ctx, q, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return domain.Job{}, fmt.Errorf("op=job.get: %w", domain.ErrNotFound)
		}
		return domain.Job{}, fmt.Errorf("op=job.get: %w", err)
	}
	return j, nil
}

// UpdateJobState sets the state and patch fields in one guarded write.
// Transitions are rejected with ErrConflict when the job's current state is
// not in from (terminal states therefore stay terminal, even on retry).
// Transient storage errors are retried with exponential backoff.
func (r *JobRepo) UpdateJobState(ctx domain.Context, id string, from []domain.JobState, to domain.JobState, patch domain.JobPatch) error {
	tracer := otel.Tracer("repo.jobs")
	ctx, span := tracer.Start(ctx, "jobs.UpdateJobState")
	defer span.End()
	span.SetAttributes(
		attribute.String("db.system", "postgresql"),
		attribute.String("db.sql.table", "jobs"),
		attribute.String("job.to_state", string(to)),
	)

	startedAt := patch.StartedAt
	if to == domain.JobInProgress && startedAt == nil {
		now := time.Now().UTC()
		startedAt = &now
	}
	completedAt := patch.CompletedAt
	if to.Terminal() && completedAt == nil {
		now := time.Now().UTC()
		completedAt = &now
	}
	var resultsJSON []byte
	if patch.Results != nil {
		b, err := json.Marshal(patch.Results)
		if err != nil {
			return fmt.Errorf("op=job.update_state.marshal: %w", err)
		}
		resultsJSON = b
	}
	fromStates := make([]string, 0, len(from))
	for _, s := range from {
		fromStates = append(fromStates, string(s))
	}

	q := `UPDATE jobs SET
		status = $2,
		error = COALESCE($4, error),
		results = COALESCE($5::jsonb, results),
		credits_used = COALESCE($6, credits_used),
		started_at = COALESCE($7, started_at),
		completed_at = COALESCE($8, completed_at)
	WHERE id = $1 AND status = ANY($3)`

	op := func() error {
		tag, err := r.Pool.Exec(ctx, q, id, to, fromStates, patch.Error, resultsJSON, patch.CreditsUsed, startedAt, completedAt)
		if err != nil {
			if transientStoreError(err) {
				return err // retryable
			}
			return backoff.Permanent(err)
		}
		if tag.RowsAffected() == 0 {
			return backoff.Permanent(r.classifyNoWrite(ctx, id))
		}
		return nil
	}

	bo := backoff.WithContext(backoff.WithMaxRetries(backoff.NewExponentialBackOff(), maxTransitionRetries), ctx)
	if err := backoff.Retry(op, bo); err != nil {
		return fmt.Errorf("op=job.update_state: %w", err)
	}
	slog.Debug("job state updated", slog.String("job_id", id), slog.String("status", string(to)))
	return nil
}

// classifyNoWrite distinguishes a missing job from a guard rejection.
func (r *JobRepo) classifyNoWrite(ctx domain.Context, id string) error {
	var current string
	err := r.Pool.QueryRow(ctx, `SELECT status FROM jobs WHERE id=$1`, id).Scan(&current)
	if errors.Is(err, pgx.ErrNoRows) {
		return domain.ErrNotFound
	}
	if err != nil {
		return err
	}
	return fmt.Errorf("state %s: %w", current, domain.ErrConflict)
}

// AppendJobLog appends one entry to the job's log sequence and broadcasts it.
func (r *JobRepo) AppendJobLog(ctx domain.Context, id string, entry domain.LogEntry) error {
	tracer := otel.Tracer("repo.jobs")
	ctx, span := tracer.Start(ctx, "jobs.AppendJobLog")
	defer span.End()
	span.SetAttributes(
		attribute.String("db.system", "postgresql"),
		attribute.String("db.sql.table", "jobs"),
		attribute.String("job.log_step", entry.Step),
	)
	if entry.Timestamp.IsZero() {
		entry.Timestamp = time.Now().UTC()
	}
	entryJSON, err := json.Marshal([]domain.LogEntry{entry})
	if err != nil {
		return fmt.Errorf("op=job.append_log.marshal: %w", err)
	}
	tag, err := r.Pool.Exec(ctx, `UPDATE jobs SET logs = logs || $2::jsonb WHERE id = $1`, id, entryJSON)
	if err != nil {
		return fmt.Errorf("op=job.append_log: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("op=job.append_log: %w", domain.ErrNotFound)
	}
	if r.Publisher != nil {
		r.Publisher.Publish(id, entry)
	}
	return nil
}

// ListUserJobs returns the user's jobs newest first, optionally filtered by state.
func (r *JobRepo) ListUserJobs(ctx domain.Context, userID string, state domain.JobState) ([]domain.Job, error) {
	tracer := otel.Tracer("repo.jobs")
	ctx, span := tracer.Start(ctx, "jobs.ListUserJobs")
	defer span.End()
	span.SetAttributes(
		attribute.String("db.system", "postgresql"),
		attribute.String("db.sql.table", "jobs"),
	)
	q := `SELECT ` + jobColumns + ` FROM jobs WHERE user_id=$1`
	args := []any{userID}
	if state != "" {
		q += ` AND status=$2`
		args = append(args, state)
	}
	q += ` ORDER BY created_at DESC`
	rows, err := r.Pool.Query(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("op=job.list: %w", err)
	}
	defer rows.Close()
	var jobs []domain.Job
	for rows.Next() {
		j, err := scanJob(rows)
		if err != nil {
			return nil, fmt.Errorf("op=job.list_scan: %w", err)
		}
		jobs = append(jobs, j)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("op=job.list_rows: %w", err)
	}
	return jobs, nil
}

// FindStuckJobs returns in_progress jobs started before cutoff and pending
// jobs created before cutoff.
func (r *JobRepo) FindStuckJobs(ctx domain.Context, cutoff time.Time) ([]domain.Job, []domain.Job, error) {
	tracer := otel.Tracer("repo.jobs")
	ctx, span := tracer.Start(ctx, "jobs.FindStuckJobs")
	defer span.End()
	span.SetAttributes(
		attribute.String("db.system", "postgresql"),
		attribute.String("db.sql.table", "jobs"),
	)
	inProgress, err := r.queryJobs(ctx, `SELECT `+jobColumns+` FROM jobs WHERE status=$1 AND started_at < $2`, domain.JobInProgress, cutoff)
	if err != nil {
		return nil, nil, fmt.Errorf("op=job.find_stuck.in_progress: %w", err)
	}
	pending, err := r.queryJobs(ctx, `SELECT `+jobColumns+` FROM jobs WHERE status=$1 AND created_at < $2`, domain.JobPending, cutoff)
	if err != nil {
		return nil, nil, fmt.Errorf("op=job.find_stuck.pending: %w", err)
	}
	return inProgress, pending, nil
}

func (r *JobRepo) queryJobs(ctx domain.Context, q string, args ...any) ([]domain.Job, error) {
	rows, err := r.Pool.Query(ctx, q, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var jobs []domain.Job
	for rows.Next() {
		j, err := scanJob(rows)
		if err != nil {
			return nil, err
		}
		jobs = append(jobs, j)
	}
	return jobs, rows.Err()
}

func scanJob(row pgx.Row) (domain.Job, error) {
	var j domain.Job
	var paramsJSON, resultsJSON, logsJSON []byte
	if err := row.Scan(&j.ID, &j.UserID, &j.Type, &j.State, &paramsJSON, &resultsJSON, &j.Error, &j.CreditsUsed, &j.CreatedAt, &j.StartedAt, &j.CompletedAt, &logsJSON); err != nil {
		return domain.Job{}, err
	}
	if len(paramsJSON) > 0 {
		if err := json.Unmarshal(paramsJSON, &j.Parameters); err != nil {
			return domain.Job{}, fmt.Errorf("parameters: %w", err)
		}
	}
	if len(resultsJSON) > 0 {
		j.Results = &domain.JobResults{}
		if err := json.Unmarshal(resultsJSON, j.Results); err != nil {
			return domain.Job{}, fmt.Errorf("results: %w", err)
		}
	}
	if len(logsJSON) > 0 {
		if err := json.Unmarshal(logsJSON, &j.Logs); err != nil {
			return domain.Job{}, fmt.Errorf("logs: %w", err)
		}
	}
	return j, nil
}

// transientStoreError reports whether err looks like a connection-level
// failure worth retrying. Unknown errors surface immediately.
func transientStoreError(err error) bool {
	if err == nil {
		return false
	}
	if pgconn.SafeToRetry(err) || pgconn.Timeout(err) {
		return true
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		return true
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		// Class 08 — connection exceptions.
		return strings.HasPrefix(pgErr.Code, "08")
	}
	return false
}

package usecase

import (
	"errors"
	"fmt"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"

	"github.com/Lucas-Song-Dev/INSIGHT/internal/domain"
)

// JobRegistry wraps the job store and enforces the state machine:
// pending → in_progress → {completed, failed}; pending → {failed, cancelled};
// in_progress → cancelled. Every transition is a guarded store write, so a
// terminal state can never be left, even on retry.
type JobRegistry struct {
	Jobs domain.JobStore
}

// NewJobRegistry constructs a registry over the given job store.
func NewJobRegistry(jobs domain.JobStore) JobRegistry { return JobRegistry{Jobs: jobs} }

// Create inserts a pending job and returns its id.
func (r JobRegistry) Create(ctx domain.Context, userID string, typ domain.JobType, params domain.JobParameters) (string, error) {
	return r.Jobs.CreateJob(ctx, userID, typ, params)
}

// Get loads a job by id.
func (r JobRegistry) Get(ctx domain.Context, id string) (domain.Job, error) {
	return r.Jobs.GetJob(ctx, id)
}

// Start transitions pending → in_progress and stamps started_at.
func (r JobRegistry) Start(ctx domain.Context, id string) error {
	return r.transition(ctx, id, []domain.JobState{domain.JobPending}, domain.JobInProgress, domain.JobPatch{})
}

// Complete transitions in_progress → completed with results and the admission
// debit recorded.
func (r JobRegistry) Complete(ctx domain.Context, id string, results *domain.JobResults, creditsUsed int) error {
	return r.transition(ctx, id, []domain.JobState{domain.JobInProgress}, domain.JobCompleted, domain.JobPatch{
		Results:     results,
		CreditsUsed: &creditsUsed,
	})
}

// Fail transitions a non-terminal job to failed with the error message and
// the admission debit recorded.
func (r JobRegistry) Fail(ctx domain.Context, id string, errMsg string, creditsUsed *int) error {
	return r.transition(ctx, id,
		[]domain.JobState{domain.JobPending, domain.JobInProgress},
		domain.JobFailed,
		domain.JobPatch{Error: &errMsg, CreditsUsed: creditsUsed})
}

// FailAt is Fail with an explicit completion timestamp (watchdog reaps).
func (r JobRegistry) FailAt(ctx domain.Context, id string, errMsg string, completedAt time.Time) error {
	return r.transition(ctx, id,
		[]domain.JobState{domain.JobPending, domain.JobInProgress},
		domain.JobFailed,
		domain.JobPatch{Error: &errMsg, CompletedAt: &completedAt})
}

// Cancel transitions a non-terminal job to cancelled.
func (r JobRegistry) Cancel(ctx domain.Context, id string) error {
	return r.transition(ctx, id,
		[]domain.JobState{domain.JobPending, domain.JobInProgress},
		domain.JobCancelled, domain.JobPatch{})
}

func (r JobRegistry) transition(ctx domain.Context, id string, from []domain.JobState, to domain.JobState, patch domain.JobPatch) error {
	tr := otel.Tracer("usecase.jobs")
	ctx, span := tr.Start(ctx, "JobRegistry.transition")
	defer span.End()
	span.SetAttributes(
		attribute.String("job.id", id),
		attribute.String("job.to_state", string(to)),
	)
	if err := r.Jobs.UpdateJobState(ctx, id, from, to, patch); err != nil {
		return fmt.Errorf("op=registry.transition: %w", err)
	}
	return nil
}

// Log appends a pipeline step entry; appends are allowed in any state.
func (r JobRegistry) Log(ctx domain.Context, id, step, message string, details any) error {
	return r.Jobs.AppendJobLog(ctx, id, domain.LogEntry{
		Step:      step,
		Message:   message,
		Details:   details,
		Timestamp: time.Now().UTC(),
	})
}

// Cancelled reports whether the job has been externally cancelled. The store
// is the only authoritative cancellation signal; runners poll this between
// steps. Lookup errors read as not-cancelled so a flaky read never aborts a
// healthy run.
func (r JobRegistry) Cancelled(ctx domain.Context, id string) bool {
	j, err := r.Jobs.GetJob(ctx, id)
	if err != nil {
		return false
	}
	return j.State == domain.JobCancelled
}

// IsTerminalConflict reports whether err is the guarded-write rejection a
// runner must accept silently after a concurrent cancellation.
func IsTerminalConflict(err error) bool { return errors.Is(err, domain.ErrConflict) }

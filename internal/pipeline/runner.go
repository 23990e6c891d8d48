// Package pipeline contains the per-job-type executors.
//
// Each runner is a single-pass function invoked on a background worker: it
// moves the job to in_progress, walks its steps emitting one log entry per
// step, persists outputs, and finalizes the job. Runners never panic out of
// the worker body; failures transition the job to failed and refund any
// admission debit. Cancellation is cooperative: runners poll the job state
// between steps and accept guarded-write rejections silently when a
// concurrent cancel won.
package pipeline

import (
	"fmt"
	"log/slog"
	"time"

	"github.com/Lucas-Song-Dev/INSIGHT/internal/domain"
	"github.com/Lucas-Song-Dev/INSIGHT/internal/observability"
	"github.com/Lucas-Song-Dev/INSIGHT/internal/usecase"
)

// Runners executes pipeline jobs against the store and the external
// Analyzer/Scraper capabilities.
type Runners struct {
	Store    domain.Store
	Registry usecase.JobRegistry
	Ledger   usecase.CreditLedger
	Analyzer domain.Analyzer
	Scraper  domain.Scraper

	// SubredditTimeout bounds each per-subreddit search inside a scrape.
	SubredditTimeout time.Duration
	// DefaultSubreddits is the fallback set when neither the caller nor the
	// analyzer supplies one.
	DefaultSubreddits []string
}

// New constructs the runner set.
func New(store domain.Store, reg usecase.JobRegistry, ledger usecase.CreditLedger, analyzer domain.Analyzer, scraper domain.Scraper, subredditTimeout time.Duration, defaultSubreddits []string) *Runners {
	return &Runners{
		Store:             store,
		Registry:          reg,
		Ledger:            ledger,
		Analyzer:          analyzer,
		Scraper:           scraper,
		SubredditTimeout:  subredditTimeout,
		DefaultSubreddits: defaultSubreddits,
	}
}

var _ usecase.PipelineRunner = (*Runners)(nil)

// begin moves the job to in_progress. A guard rejection means the job was
// cancelled (or reaped) before the worker got scheduled; the runner exits.
func (r *Runners) begin(ctx domain.Context, jobID string, typ domain.JobType) bool {
	if err := r.Registry.Start(ctx, jobID); err != nil {
		if usecase.IsTerminalConflict(err) {
			slog.Info("job already terminal before start", slog.String("job_id", jobID))
		} else {
			slog.Error("failed to start job", slog.String("job_id", jobID), slog.Any("error", err))
		}
		return false
	}
	observability.JobsRunning.WithLabelValues(string(typ)).Inc()
	return true
}

// emit appends one step log entry; append failures are logged and ignored so
// a flaky log write never fails a healthy run.
func (r *Runners) emit(ctx domain.Context, jobID, step, message string, details any) {
	if err := r.Registry.Log(ctx, jobID, step, message, details); err != nil {
		slog.Warn("failed to append job log",
			slog.String("job_id", jobID),
			slog.String("step", step),
			slog.Any("error", err))
	}
}

// complete finalizes a successful run. A guard rejection (concurrent cancel)
// is accepted silently; cancelled is terminal and the cancel path owns the
// refund.
func (r *Runners) complete(ctx domain.Context, jobID string, typ domain.JobType, results *domain.JobResults, debited int) {
	observability.JobsRunning.WithLabelValues(string(typ)).Dec()
	if err := r.Registry.Complete(ctx, jobID, results, debited); err != nil {
		if usecase.IsTerminalConflict(err) {
			slog.Info("success write rejected by terminal state", slog.String("job_id", jobID))
			return
		}
		slog.Error("failed to complete job", slog.String("job_id", jobID), slog.Any("error", err))
		return
	}
	observability.JobsCompletedTotal.WithLabelValues(string(typ), string(domain.JobCompleted)).Inc()
}

// fail finalizes a failed run and refunds the admission debit. The terminal
// state write happens before the refund; when the write loses to a concurrent
// cancel no refund is issued here (the cancel path already credited).
func (r *Runners) fail(ctx domain.Context, jobID, userID string, typ domain.JobType, debited int, errMsg string) {
	observability.JobsRunning.WithLabelValues(string(typ)).Dec()
	r.emit(ctx, jobID, "failed", errMsg, nil)
	if err := r.Registry.Fail(ctx, jobID, errMsg, &debited); err != nil {
		if usecase.IsTerminalConflict(err) {
			slog.Info("failure write rejected by terminal state", slog.String("job_id", jobID))
			return
		}
		slog.Error("failed to mark job failed", slog.String("job_id", jobID), slog.Any("error", err))
		return
	}
	observability.JobsCompletedTotal.WithLabelValues(string(typ), string(domain.JobFailed)).Inc()
	if debited > 0 {
		r.Ledger.Refund(ctx, userID, debited, "job_failed")
	}
}

// abandoned reports whether the job was cancelled underneath the runner.
// Runners call this between steps; the store is the only authoritative
// cancellation signal.
func (r *Runners) abandoned(ctx domain.Context, jobID string, typ domain.JobType) bool {
	if !r.Registry.Cancelled(ctx, jobID) {
		return false
	}
	observability.JobsRunning.WithLabelValues(string(typ)).Dec()
	slog.Info("cancellation observed, exiting early", slog.String("job_id", jobID))
	return true
}

// guard converts a panic inside a runner into a failed job instead of
// crashing the worker.
func (r *Runners) guard(ctx domain.Context, jobID, userID string, typ domain.JobType, debited int) {
	if rec := recover(); rec != nil {
		slog.Error("runner panic recovered", slog.String("job_id", jobID), slog.Any("recover", rec))
		r.fail(ctx, jobID, userID, typ, debited, fmt.Sprintf("internal error: %v", rec))
	}
}

func durationMinutes(since time.Time) float64 {
	return float64(int(time.Since(since).Minutes()*100)) / 100
}

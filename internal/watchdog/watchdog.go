// Package watchdog sweeps for jobs stuck past their wall-clock timeout and
// moves them to failed. It does not refund credits: the runner's own failure
// path is the only refund site, and a reaped job's runner is assumed dead.
package watchdog

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"

	"github.com/Lucas-Song-Dev/INSIGHT/internal/domain"
	"github.com/Lucas-Song-Dev/INSIGHT/internal/observability"
	"github.com/Lucas-Song-Dev/INSIGHT/internal/usecase"
)

// Watchdog periodically reaps overdue in_progress and pending jobs.
type Watchdog struct {
	registry usecase.JobRegistry
	jobs     domain.JobStore
	timeout  time.Duration
	interval time.Duration
}

// New constructs a Watchdog. Non-positive durations fall back to the
// defaults (30m timeout, 5m interval).
func New(jobs domain.JobStore, timeout, interval time.Duration) *Watchdog {
	if timeout <= 0 {
		timeout = 30 * time.Minute
	}
	if interval <= 0 {
		interval = 5 * time.Minute
	}
	return &Watchdog{
		registry: usecase.NewJobRegistry(jobs),
		jobs:     jobs,
		timeout:  timeout,
		interval: interval,
	}
}

// Run sweeps once immediately and then on every tick until ctx is done.
func (w *Watchdog) Run(ctx context.Context) {
	if w == nil || w.jobs == nil {
		return
	}
	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()

	w.SweepOnce(ctx)

	for {
		select {
		case <-ctx.Done():
			slog.Info("watchdog stopping")
			return
		case <-ticker.C:
			w.SweepOnce(ctx)
		}
	}
}

// SweepOnce reaps every job past the cutoff and returns how many were marked
// failed.
func (w *Watchdog) SweepOnce(ctx context.Context) int {
	tracer := otel.Tracer("jobs.watchdog")
	ctx, span := tracer.Start(ctx, "Watchdog.SweepOnce")
	defer span.End()

	now := time.Now().UTC()
	cutoff := now.Add(-w.timeout)
	span.SetAttributes(attribute.Float64("jobs.timeout_seconds", w.timeout.Seconds()))

	inProgress, pending, err := w.jobs.FindStuckJobs(ctx, cutoff)
	if err != nil {
		slog.Error("watchdog failed to list stuck jobs", slog.Any("error", err))
		return 0
	}

	marked := 0
	for _, j := range inProgress {
		msg := fmt.Sprintf("Job timed out after %d minutes", int(w.timeout.Minutes()))
		if j.StartedAt != nil {
			msg = fmt.Sprintf("Job timed out after %d minutes", int(now.Sub(*j.StartedAt).Minutes()))
		}
		if w.reap(ctx, j, msg, now) {
			marked++
		}
	}
	for _, j := range pending {
		if w.reap(ctx, j, "Job timed out (pending too long)", now) {
			marked++
		}
	}

	if marked > 0 {
		slog.Warn("watchdog reaped stuck jobs",
			slog.Int("marked", marked),
			slog.Int("in_progress", len(inProgress)),
			slog.Int("pending", len(pending)))
	}
	span.SetAttributes(attribute.Int("jobs.marked_failed", marked))
	return marked
}

func (w *Watchdog) reap(ctx context.Context, j domain.Job, msg string, now time.Time) bool {
	if err := w.registry.FailAt(ctx, j.ID, msg, now); err != nil {
		if usecase.IsTerminalConflict(err) {
			// The runner or a cancel finished the job between the scan and
			// the write.
			return false
		}
		slog.Error("watchdog failed to reap job", slog.String("job_id", j.ID), slog.Any("error", err))
		return false
	}
	observability.JobsCompletedTotal.WithLabelValues(string(j.Type), string(domain.JobFailed)).Inc()
	slog.Info("marked stuck job as failed", slog.String("job_id", j.ID), slog.String("error", msg))
	return true
}

package pipeline

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"

	"github.com/Lucas-Song-Dev/INSIGHT/internal/domain"
	"github.com/Lucas-Song-Dev/INSIGHT/internal/observability"
)

// Analysis executes an analysis job: load the product's posts, synthesize
// pain points through the analyzer, persist the analysis document and its
// pain points, optionally generate first-pass recommendations (best-effort),
// and finalize. Analyzer failure fails the job and refunds any regenerate
// debit.
func (r *Runners) Analysis(ctx context.Context, jobID, userID string, p domain.AnalysisParams, debited int) {
	tr := otel.Tracer("pipeline.analysis")
	ctx, span := tr.Start(ctx, "Runners.Analysis")
	defer span.End()
	span.SetAttributes(attribute.String("job.id", jobID), attribute.String("analysis.product", p.Product))
	defer r.guard(ctx, jobID, userID, domain.JobTypeAnalysis, debited)

	lg := observability.LoggerFromContext(ctx).With(slog.String("job_id", jobID))
	started := time.Now()

	if !r.begin(ctx, jobID, domain.JobTypeAnalysis) {
		return
	}

	posts, err := r.Store.ListPostsByProduct(ctx, p.Product, p.MaxPosts)
	if err != nil {
		r.fail(ctx, jobID, userID, domain.JobTypeAnalysis, debited, fmt.Sprintf("failed to load posts: %v", err))
		return
	}
	r.emit(ctx, jobID, "load_posts", fmt.Sprintf("Loaded %d posts for %q", len(posts), p.Product), map[string]any{"count": len(posts)})

	if r.abandoned(ctx, jobID, domain.JobTypeAnalysis) {
		return
	}

	result, err := r.Analyzer.AnalyzePainPoints(ctx, posts, p.Product)
	if err != nil {
		observability.AnalyzerRequestsTotal.WithLabelValues("analyze_pain_points", "error").Inc()
		r.fail(ctx, jobID, userID, domain.JobTypeAnalysis, debited, err.Error())
		return
	}
	observability.AnalyzerRequestsTotal.WithLabelValues("analyze_pain_points", "ok").Inc()
	r.emit(ctx, jobID, "analyze", fmt.Sprintf("Identified %d pain points", len(result.PainPoints)), map[string]any{"count": len(result.PainPoints)})

	painPoints := make([]domain.PainPoint, 0, len(result.PainPoints))
	for _, pp := range result.PainPoints {
		pp.UserID = userID
		pp.Product = domain.NormalizeProduct(p.Product)
		painPoints = append(painPoints, pp)
	}
	analysis := domain.Analysis{
		UserID:     userID,
		Product:    p.Product,
		PainPoints: painPoints,
		Summary:    result.Summary,
		CreatedAt:  time.Now().UTC(),
	}
	if err := r.Store.SaveAnalysis(ctx, analysis); err != nil {
		r.fail(ctx, jobID, userID, domain.JobTypeAnalysis, debited, fmt.Sprintf("failed to save analysis: %v", err))
		return
	}
	for _, pp := range painPoints {
		if err := r.Store.SavePainPoint(ctx, pp); err != nil {
			r.fail(ctx, jobID, userID, domain.JobTypeAnalysis, debited, fmt.Sprintf("failed to save pain points: %v", err))
			return
		}
	}
	r.emit(ctx, jobID, "save_analysis", fmt.Sprintf("Saved analysis with %d pain points", len(painPoints)), nil)

	// First-pass recommendations ride along unless skipped; their failure is
	// logged but never fails the analysis.
	recsCount := 0
	if !p.SkipRecommendations {
		rs, err := r.Analyzer.GenerateRecommendations(ctx, painPoints, p.Product, domain.RecommendationImproveProduct, "")
		if err != nil {
			observability.AnalyzerRequestsTotal.WithLabelValues("generate_recommendations", "error").Inc()
			lg.Warn("recommendation generation failed (non-fatal)", slog.Any("error", err))
			r.emit(ctx, jobID, "recommendations", fmt.Sprintf("Recommendation generation failed: %v", err), nil)
		} else {
			observability.AnalyzerRequestsTotal.WithLabelValues("generate_recommendations", "ok").Inc()
			rs.UserID = userID
			rs.Product = p.Product
			rs.RecommendationType = domain.RecommendationImproveProduct
			if err := r.Store.SaveRecommendations(ctx, rs); err != nil {
				lg.Warn("failed to save recommendations (non-fatal)", slog.Any("error", err))
			} else {
				recsCount = len(rs.Recommendations)
				r.emit(ctx, jobID, "recommendations", fmt.Sprintf("Generated %d recommendations", recsCount), map[string]any{"count": recsCount})
			}
		}
	}

	results := &domain.JobResults{Analysis: &domain.AnalysisResults{
		PainPointsCount:      len(painPoints),
		RecommendationsCount: recsCount,
		Product:              p.Product,
		DurationMinutes:      durationMinutes(started),
	}}
	r.emit(ctx, jobID, "completed", fmt.Sprintf("Analysis completed: %d pain points for %q", len(painPoints), p.Product), results.Analysis)
	r.complete(ctx, jobID, domain.JobTypeAnalysis, results, debited)
	lg.Info("analysis job finished", slog.Int("pain_points", len(painPoints)), slog.Int("recommendations", recsCount))
}

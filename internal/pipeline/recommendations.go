package pipeline

import (
	"context"
	"fmt"
	"log/slog"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"

	"github.com/Lucas-Song-Dev/INSIGHT/internal/domain"
	"github.com/Lucas-Song-Dev/INSIGHT/internal/observability"
)

// Recommendations executes a recommendations job: load the product's pain
// points, generate a typed recommendation set, persist it keyed by
// (user, product, recommendation_type), and finalize. Other recommendation
// types for the same product are never touched.
func (r *Runners) Recommendations(ctx context.Context, jobID, userID string, p domain.RecommendationParams, debited int) {
	tr := otel.Tracer("pipeline.recommendations")
	ctx, span := tr.Start(ctx, "Runners.Recommendations")
	defer span.End()
	span.SetAttributes(
		attribute.String("job.id", jobID),
		attribute.String("recommendations.product", p.Product),
		attribute.String("recommendations.type", p.RecommendationType),
	)
	defer r.guard(ctx, jobID, userID, domain.JobTypeRecommendations, debited)

	lg := observability.LoggerFromContext(ctx).With(slog.String("job_id", jobID))

	if !r.begin(ctx, jobID, domain.JobTypeRecommendations) {
		return
	}

	pains, err := r.Store.ListPainPoints(ctx, userID, p.Product)
	if err != nil {
		r.fail(ctx, jobID, userID, domain.JobTypeRecommendations, debited, fmt.Sprintf("failed to load pain points: %v", err))
		return
	}
	if len(pains) == 0 {
		// The dispatcher checked this, but a concurrent regenerate may have
		// cleared the set since admission.
		r.fail(ctx, jobID, userID, domain.JobTypeRecommendations, debited, "no pain points found for product")
		return
	}
	r.emit(ctx, jobID, "load_pain_points", fmt.Sprintf("Loaded %d pain points for %q", len(pains), p.Product), map[string]any{"count": len(pains)})

	if r.abandoned(ctx, jobID, domain.JobTypeRecommendations) {
		return
	}

	rs, err := r.Analyzer.GenerateRecommendations(ctx, pains, p.Product, p.RecommendationType, p.Context)
	if err != nil {
		observability.AnalyzerRequestsTotal.WithLabelValues("generate_recommendations", "error").Inc()
		r.fail(ctx, jobID, userID, domain.JobTypeRecommendations, debited, err.Error())
		return
	}
	observability.AnalyzerRequestsTotal.WithLabelValues("generate_recommendations", "ok").Inc()

	rs.UserID = userID
	rs.Product = p.Product
	rs.RecommendationType = p.RecommendationType
	if err := r.Store.SaveRecommendations(ctx, rs); err != nil {
		r.fail(ctx, jobID, userID, domain.JobTypeRecommendations, debited, fmt.Sprintf("failed to save recommendations: %v", err))
		return
	}

	results := &domain.JobResults{Recommendations: &domain.RecommendationResults{
		Product:              p.Product,
		RecommendationType:   p.RecommendationType,
		RecommendationsCount: len(rs.Recommendations),
	}}
	r.emit(ctx, jobID, "completed", fmt.Sprintf("Generated %d %s recommendations for %q", len(rs.Recommendations), p.RecommendationType, p.Product), results.Recommendations)
	r.complete(ctx, jobID, domain.JobTypeRecommendations, results, debited)
	lg.Info("recommendations job finished", slog.Int("count", len(rs.Recommendations)), slog.String("type", p.RecommendationType))
}

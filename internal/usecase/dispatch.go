package usecase

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"strings"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"

	"github.com/Lucas-Song-Dev/INSIGHT/internal/domain"
	"github.com/Lucas-Song-Dev/INSIGHT/internal/observability"
)

const (
	defaultScrapeLimit = 100
	defaultTimeFilter  = "month"
	defaultMaxPosts    = 500
	maxJobLimit        = 1000
	maxContextLength   = 500
)

// PipelineRunner executes one job of each type on the calling goroutine.
// Implementations own the full lifecycle from in_progress to a terminal
// state, including log emission and refund-on-failure.
type PipelineRunner interface {
	Scrape(ctx context.Context, jobID, userID string, p domain.ScrapeParams, debited int)
	Analysis(ctx context.Context, jobID, userID string, p domain.AnalysisParams, debited int)
	Recommendations(ctx context.Context, jobID, userID string, p domain.RecommendationParams, debited int)
}

// Dispatcher performs request-side admission: validate, check preconditions,
// debit atomically, create the job record, launch the runner, and return
// immediately.
type Dispatcher struct {
	Store    domain.Store
	Ledger   CreditLedger
	Registry JobRegistry
	Workers  *WorkerRegistry
	Runners  PipelineRunner
	Scraper  domain.Scraper
}

// ScrapeRequest are the admitted scrape.start inputs.
type ScrapeRequest struct {
	Topic      string
	Limit      int
	TimeFilter string
	IsCustom   bool
	Subreddits []string
}

// ScrapeAccepted is the immediate scrape.start response.
type ScrapeAccepted struct {
	JobID      string   `json:"job_id"`
	Topic      string   `json:"topic"`
	Subreddits []string `json:"subreddits"`
}

// AnalysisRequest are the admitted analysis.start inputs.
type AnalysisRequest struct {
	Product             string
	MaxPosts            int
	SkipRecommendations bool
	Regenerate          bool
}

// AnalysisAccepted is the immediate analysis.start response.
type AnalysisAccepted struct {
	JobID   string `json:"job_id"`
	Product string `json:"product"`
}

// RecommendationsRequest are the admitted recommendations.start inputs.
type RecommendationsRequest struct {
	Products           []string
	RecommendationType string
	Context            string
	Regenerate         bool
}

// RecommendationsAccepted is the immediate recommendations.start response.
type RecommendationsAccepted struct {
	JobID              string `json:"job_id"`
	Product            string `json:"product"`
	RecommendationType string `json:"recommendation_type"`
}

// CancelResult is the job.cancel response.
type CancelResult struct {
	JobID      string `json:"job_id"`
	NewCredits int    `json:"new_credits"`
}

// StartScrape admits a scrape job. Concurrent scrapes per user are permitted;
// each launches its own worker.
func (d *Dispatcher) StartScrape(ctx domain.Context, userID string, req ScrapeRequest) (ScrapeAccepted, error) {
	tr := otel.Tracer("usecase.dispatch")
	ctx, span := tr.Start(ctx, "Dispatcher.StartScrape")
	defer span.End()

	lg := observability.LoggerFromContext(ctx)

	topic := strings.TrimSpace(req.Topic)
	if topic == "" {
		return ScrapeAccepted{}, fmt.Errorf("op=dispatch.scrape: topic required: %w", domain.ErrInvalidArgument)
	}
	limit := req.Limit
	if limit == 0 {
		limit = defaultScrapeLimit
	}
	if limit < 1 || limit > maxJobLimit {
		return ScrapeAccepted{}, fmt.Errorf("op=dispatch.scrape: limit %d out of range: %w", limit, domain.ErrInvalidArgument)
	}
	timeFilter := req.TimeFilter
	if timeFilter == "" {
		timeFilter = defaultTimeFilter
	}
	if !domain.TimeFilters[timeFilter] {
		return ScrapeAccepted{}, fmt.Errorf("op=dispatch.scrape: time_filter %q: %w", timeFilter, domain.ErrInvalidArgument)
	}
	subreddits := normalizeSubreddits(req.Subreddits)

	if d.Scraper == nil || !d.Scraper.Configured() {
		return ScrapeAccepted{}, fmt.Errorf("op=dispatch.scrape: %w", domain.ErrCredentialsUnavailable)
	}

	cost := d.Ledger.ScrapeCost(limit, timeFilter)
	if _, err := d.Ledger.Debit(ctx, userID, cost); err != nil {
		return ScrapeAccepted{}, err
	}

	params := domain.ScrapeParams{
		Topic:      topic,
		Limit:      limit,
		TimeFilter: timeFilter,
		IsCustom:   req.IsCustom,
		Subreddits: subreddits,
	}
	jobID, err := d.Registry.Create(ctx, userID, domain.JobTypeScrape, domain.JobParameters{Scrape: &params})
	if err != nil {
		// Compensate the debit; the job never existed.
		d.Ledger.Refund(ctx, userID, cost, "create_failed")
		return ScrapeAccepted{}, fmt.Errorf("op=dispatch.scrape: %w", err)
	}
	span.SetAttributes(attribute.String("job.id", jobID), attribute.Int("credits.cost", cost))
	observability.JobsStartedTotal.WithLabelValues(string(domain.JobTypeScrape)).Inc()
	observability.CreditsDebitedTotal.WithLabelValues(string(domain.JobTypeScrape)).Add(float64(cost))

	h := d.Workers.Add(userID, jobID, topic)
	runCtx := d.launchContext(ctx)
	go func() {
		defer d.Workers.Remove(userID, h)
		d.Runners.Scrape(runCtx, jobID, userID, params, cost)
	}()

	lg.Info("scrape job admitted",
		slog.String("job_id", jobID),
		slog.String("user_id", userID),
		slog.String("topic", topic),
		slog.Int("cost", cost))
	return ScrapeAccepted{JobID: jobID, Topic: topic, Subreddits: subreddits}, nil
}

// StartAnalysis admits an analysis job. Regenerates are debited and clear
// prior artifacts for (user, product) before the runner starts.
func (d *Dispatcher) StartAnalysis(ctx domain.Context, userID string, req AnalysisRequest) (AnalysisAccepted, error) {
	tr := otel.Tracer("usecase.dispatch")
	ctx, span := tr.Start(ctx, "Dispatcher.StartAnalysis")
	defer span.End()

	lg := observability.LoggerFromContext(ctx)

	product := domain.NormalizeProduct(req.Product)
	if product == "" {
		return AnalysisAccepted{}, fmt.Errorf("op=dispatch.analysis: product required: %w", domain.ErrInvalidArgument)
	}
	maxPosts := req.MaxPosts
	if maxPosts == 0 {
		maxPosts = defaultMaxPosts
	}
	if maxPosts < 1 || maxPosts > maxJobLimit {
		return AnalysisAccepted{}, fmt.Errorf("op=dispatch.analysis: max_posts %d out of range: %w", maxPosts, domain.ErrInvalidArgument)
	}

	n, err := d.Store.CountPostsByProduct(ctx, product)
	if err != nil {
		return AnalysisAccepted{}, fmt.Errorf("op=dispatch.analysis: %w", err)
	}
	if n == 0 {
		return AnalysisAccepted{}, fmt.Errorf("op=dispatch.analysis: product %q: %w", product, domain.ErrNoPosts)
	}

	cost := d.Ledger.AnalysisCost(req.Regenerate)
	if _, err := d.Ledger.Debit(ctx, userID, cost); err != nil {
		return AnalysisAccepted{}, err
	}

	if req.Regenerate {
		// Supersede prior artifacts before the runner starts.
		if err := d.clearProductArtifacts(ctx, userID, product); err != nil {
			d.Ledger.Refund(ctx, userID, cost, "create_failed")
			return AnalysisAccepted{}, fmt.Errorf("op=dispatch.analysis.clear: %w", err)
		}
	}

	params := domain.AnalysisParams{
		Product:             product,
		MaxPosts:            maxPosts,
		SkipRecommendations: req.SkipRecommendations,
		Regenerate:          req.Regenerate,
	}
	jobID, err := d.Registry.Create(ctx, userID, domain.JobTypeAnalysis, domain.JobParameters{Analysis: &params})
	if err != nil {
		d.Ledger.Refund(ctx, userID, cost, "create_failed")
		return AnalysisAccepted{}, fmt.Errorf("op=dispatch.analysis: %w", err)
	}
	span.SetAttributes(attribute.String("job.id", jobID), attribute.Int("credits.cost", cost))
	observability.JobsStartedTotal.WithLabelValues(string(domain.JobTypeAnalysis)).Inc()
	observability.CreditsDebitedTotal.WithLabelValues(string(domain.JobTypeAnalysis)).Add(float64(cost))

	runCtx := d.launchContext(ctx)
	go d.Runners.Analysis(runCtx, jobID, userID, params, cost)

	lg.Info("analysis job admitted",
		slog.String("job_id", jobID),
		slog.String("user_id", userID),
		slog.String("product", product),
		slog.Bool("regenerate", req.Regenerate),
		slog.Int("cost", cost))
	return AnalysisAccepted{JobID: jobID, Product: product}, nil
}

// StartRecommendations admits a recommendations job for the first product in
// the request.
func (d *Dispatcher) StartRecommendations(ctx domain.Context, userID string, req RecommendationsRequest) (RecommendationsAccepted, error) {
	tr := otel.Tracer("usecase.dispatch")
	ctx, span := tr.Start(ctx, "Dispatcher.StartRecommendations")
	defer span.End()

	lg := observability.LoggerFromContext(ctx)

	if len(req.Products) == 0 {
		return RecommendationsAccepted{}, fmt.Errorf("op=dispatch.recommendations: products required: %w", domain.ErrInvalidArgument)
	}
	product := domain.NormalizeProduct(req.Products[0])
	if product == "" {
		return RecommendationsAccepted{}, fmt.Errorf("op=dispatch.recommendations: product required: %w", domain.ErrInvalidArgument)
	}
	recType := req.RecommendationType
	if recType == "" {
		recType = domain.RecommendationImproveProduct
	}
	if !domain.ValidRecommendationType(recType) {
		return RecommendationsAccepted{}, fmt.Errorf("op=dispatch.recommendations: recommendation_type %q: %w", recType, domain.ErrInvalidArgument)
	}
	if len(req.Context) > maxContextLength {
		return RecommendationsAccepted{}, fmt.Errorf("op=dispatch.recommendations: context exceeds %d chars: %w", maxContextLength, domain.ErrInvalidArgument)
	}

	pains, err := d.Store.ListPainPoints(ctx, userID, product)
	if err != nil {
		return RecommendationsAccepted{}, fmt.Errorf("op=dispatch.recommendations: %w", err)
	}
	if len(pains) == 0 {
		return RecommendationsAccepted{}, fmt.Errorf("op=dispatch.recommendations: product %q: %w", product, domain.ErrNoPainPoints)
	}

	cost := d.Ledger.RecommendationsCost(req.Regenerate)
	if _, err := d.Ledger.Debit(ctx, userID, cost); err != nil {
		return RecommendationsAccepted{}, err
	}

	params := domain.RecommendationParams{
		Product:            product,
		RecommendationType: recType,
		Regenerate:         req.Regenerate,
		Context:            req.Context,
	}
	jobID, err := d.Registry.Create(ctx, userID, domain.JobTypeRecommendations, domain.JobParameters{Recommendations: &params})
	if err != nil {
		d.Ledger.Refund(ctx, userID, cost, "create_failed")
		return RecommendationsAccepted{}, fmt.Errorf("op=dispatch.recommendations: %w", err)
	}
	span.SetAttributes(attribute.String("job.id", jobID), attribute.Int("credits.cost", cost))
	observability.JobsStartedTotal.WithLabelValues(string(domain.JobTypeRecommendations)).Inc()
	observability.CreditsDebitedTotal.WithLabelValues(string(domain.JobTypeRecommendations)).Add(float64(cost))

	runCtx := d.launchContext(ctx)
	go d.Runners.Recommendations(runCtx, jobID, userID, params, cost)

	lg.Info("recommendations job admitted",
		slog.String("job_id", jobID),
		slog.String("user_id", userID),
		slog.String("product", product),
		slog.String("recommendation_type", recType),
		slog.Int("cost", cost))
	return RecommendationsAccepted{JobID: jobID, Product: product, RecommendationType: recType}, nil
}

// Cancel verifies ownership, transitions the job to cancelled, and credits
// the fixed cancellation refund. Cancellation is cooperative: the running
// worker is never preempted, it observes the terminal state on its next
// guarded write.
func (d *Dispatcher) Cancel(ctx domain.Context, userID, jobID string) (CancelResult, error) {
	tr := otel.Tracer("usecase.dispatch")
	ctx, span := tr.Start(ctx, "Dispatcher.Cancel")
	defer span.End()
	span.SetAttributes(attribute.String("job.id", jobID))

	j, err := d.Registry.Get(ctx, jobID)
	if err != nil {
		return CancelResult{}, err
	}
	if j.UserID != userID {
		return CancelResult{}, fmt.Errorf("op=dispatch.cancel: %w", domain.ErrForbidden)
	}
	if j.State.Terminal() {
		return CancelResult{}, fmt.Errorf("op=dispatch.cancel: state %s: %w", j.State, domain.ErrConflict)
	}
	if err := d.Registry.Cancel(ctx, jobID); err != nil {
		return CancelResult{}, err
	}
	observability.JobsCompletedTotal.WithLabelValues(string(j.Type), string(domain.JobCancelled)).Inc()
	d.Ledger.Refund(ctx, userID, d.Ledger.Costs.CancelRefund, "cancelled")
	u, err := d.Store.FindUser(ctx, userID)
	if err != nil {
		return CancelResult{JobID: jobID}, nil
	}
	return CancelResult{JobID: jobID, NewCredits: u.Credits}, nil
}

// GetJob returns a job with its logs after an ownership check.
func (d *Dispatcher) GetJob(ctx domain.Context, userID, jobID string) (domain.Job, error) {
	j, err := d.Registry.Get(ctx, jobID)
	if err != nil {
		return domain.Job{}, err
	}
	if j.UserID != userID {
		return domain.Job{}, fmt.Errorf("op=dispatch.get_job: %w", domain.ErrForbidden)
	}
	return j, nil
}

// ListJobs returns the user's jobs newest first, optionally filtered by state.
func (d *Dispatcher) ListJobs(ctx domain.Context, userID string, state domain.JobState) ([]domain.Job, error) {
	if state != "" {
		switch state {
		case domain.JobPending, domain.JobInProgress, domain.JobCompleted, domain.JobFailed, domain.JobCancelled:
		default:
			return nil, fmt.Errorf("op=dispatch.list_jobs: status %q: %w", state, domain.ErrInvalidArgument)
		}
	}
	return d.Store.ListUserJobs(ctx, userID, state)
}

// Products derives the distinct product keys from the user's past jobs.
func (d *Dispatcher) Products(ctx domain.Context, userID string) ([]string, error) {
	jobs, err := d.Store.ListUserJobs(ctx, userID, "")
	if err != nil {
		return nil, fmt.Errorf("op=dispatch.products: %w", err)
	}
	seen := make(map[string]bool)
	for _, j := range jobs {
		var p string
		switch {
		case j.Parameters.Scrape != nil:
			p = j.Parameters.Scrape.Topic
		case j.Parameters.Analysis != nil:
			p = j.Parameters.Analysis.Product
		case j.Parameters.Recommendations != nil:
			p = j.Parameters.Recommendations.Product
		}
		if p = domain.NormalizeProduct(p); p != "" {
			seen[p] = true
		}
	}
	products := make([]string, 0, len(seen))
	for p := range seen {
		products = append(products, p)
	}
	sort.Strings(products)
	return products, nil
}

// ScrapeStatus snapshots the user's live scrape workers.
func (d *Dispatcher) ScrapeStatus(_ domain.Context, userID string) (bool, []WorkerInfo) {
	return d.Workers.HasLive(userID), d.Workers.Live(userID)
}

// clearProductArtifacts deletes the prior analysis, pain points, and
// recommendations for (user, product).
func (d *Dispatcher) clearProductArtifacts(ctx domain.Context, userID, product string) error {
	if err := d.Store.DeleteAnalysisByProduct(ctx, userID, product); err != nil {
		return err
	}
	if err := d.Store.DeletePainPointsByProduct(ctx, userID, product); err != nil {
		return err
	}
	return d.Store.DeleteRecommendationsByProduct(ctx, userID, product)
}

// launchContext detaches the runner from the request's cancellation while
// keeping its logger and request id for correlation.
func (d *Dispatcher) launchContext(ctx domain.Context) context.Context {
	runCtx := context.WithoutCancel(ctx)
	runCtx = observability.ContextWithLogger(runCtx, observability.LoggerFromContext(ctx))
	return observability.ContextWithRequestID(runCtx, observability.RequestIDFromContext(ctx))
}

func normalizeSubreddits(in []string) []string {
	var out []string
	for _, s := range in {
		s = strings.TrimSpace(strings.TrimPrefix(strings.TrimSpace(s), "r/"))
		if s != "" {
			out = append(out, s)
		}
	}
	return out
}

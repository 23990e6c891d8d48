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

// defaultQueries are the product-mention searches used when the analyzer did
// not propose its own query set.
func defaultQueries(topic string) []string {
	return []string{
		topic,
		topic + " issue",
		topic + " problem",
		topic + " bug",
		topic + " feature request",
	}
}

// Scrape executes a scrape job: resolve subreddits and queries, search each
// query, persist the found posts attributed to the topic, and finalize.
// Per-query and per-subreddit failures are swallowed (logged and skipped); a
// scrape where every search comes back empty still completes with a zero
// post count.
func (r *Runners) Scrape(ctx context.Context, jobID, userID string, p domain.ScrapeParams, debited int) {
	tr := otel.Tracer("pipeline.scrape")
	ctx, span := tr.Start(ctx, "Runners.Scrape")
	defer span.End()
	span.SetAttributes(attribute.String("job.id", jobID), attribute.String("scrape.topic", p.Topic))
	defer r.guard(ctx, jobID, userID, domain.JobTypeScrape, debited)

	lg := observability.LoggerFromContext(ctx).With(slog.String("job_id", jobID))
	started := time.Now()

	if !r.begin(ctx, jobID, domain.JobTypeScrape) {
		return
	}

	// Step 1: resolve the subreddit set.
	subreddits := p.Subreddits
	var queries []string
	if len(subreddits) == 0 {
		sug, err := r.Analyzer.SuggestSubreddits(ctx, p.Topic, p.IsCustom)
		switch {
		case err != nil:
			lg.Warn("subreddit suggestion failed, using defaults", slog.Any("error", err))
			subreddits = r.DefaultSubreddits
		case len(sug.Subreddits) == 0:
			lg.Warn("subreddit suggestion empty, using defaults")
			subreddits = r.DefaultSubreddits
		default:
			subreddits = sug.Subreddits
			queries = sug.SearchQueries
		}
	}
	r.emit(ctx, jobID, "subreddits", fmt.Sprintf("Searching %d subreddits", len(subreddits)), subreddits)

	// Step 2: resolve the query set.
	if len(queries) == 0 {
		queries = defaultQueries(p.Topic)
	}
	r.emit(ctx, jobID, "search_queries", fmt.Sprintf("Using %d search queries", len(queries)), queries)

	// Step 3: search. Individual query errors are logged and skipped.
	perQuery := p.Limit / len(queries)
	if perQuery < 1 {
		perQuery = 1
	}
	found := make(map[string]domain.Post)
	total := 0
	for _, q := range queries {
		if r.abandoned(ctx, jobID, domain.JobTypeScrape) {
			return
		}
		posts, err := r.Scraper.Search(ctx, q, subreddits, perQuery, p.TimeFilter, r.SubredditTimeout)
		if err != nil {
			lg.Warn("search query failed, continuing", slog.String("query", q), slog.Any("error", err))
			r.emit(ctx, jobID, "find_posts", fmt.Sprintf("Query %q failed, continuing (%d posts so far)", q, total), nil)
			continue
		}
		total += len(posts)
		for _, post := range posts {
			found[post.ID] = post
		}
		r.emit(ctx, jobID, "find_posts", fmt.Sprintf("Found %d posts so far", total), map[string]any{"query": q, "total": total})
	}

	// Step 4: persist, attributing each post to the topic.
	saved := 0
	for _, post := range found {
		post.Product = domain.NormalizeProduct(p.Topic)
		if err := r.Store.SavePost(ctx, post); err != nil {
			r.fail(ctx, jobID, userID, domain.JobTypeScrape, debited, fmt.Sprintf("failed to save posts: %v", err))
			return
		}
		saved++
	}
	r.emit(ctx, jobID, "save_posts", fmt.Sprintf("Saved %d posts", saved), map[string]any{"saved": saved})

	results := &domain.JobResults{Scrape: &domain.ScrapeResults{
		PostsCount:      saved,
		TotalPostsFound: total,
		SubredditsUsed:  subreddits,
		Topic:           p.Topic,
		DurationMinutes: durationMinutes(started),
	}}
	r.emit(ctx, jobID, "completed", fmt.Sprintf("Scrape completed: %d posts for %q", saved, p.Topic), results.Scrape)
	r.complete(ctx, jobID, domain.JobTypeScrape, results, debited)
	lg.Info("scrape job finished", slog.Int("posts", saved), slog.Int("total_found", total))
}

package pipeline_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/Lucas-Song-Dev/INSIGHT/internal/adapter/repo/memory"
	"github.com/Lucas-Song-Dev/INSIGHT/internal/config"
	"github.com/Lucas-Song-Dev/INSIGHT/internal/domain"
	"github.com/Lucas-Song-Dev/INSIGHT/internal/pipeline"
	"github.com/Lucas-Song-Dev/INSIGHT/internal/usecase"
)

var defaultSubreddits = []string{"programming", "webdev"}

type fakeAnalyzer struct {
	suggest   func(topic string, isCustom bool) (domain.SubredditSuggestion, error)
	analyze   func(posts []domain.Post, product string) (domain.PainPointAnalysis, error)
	recommend func(painPoints []domain.PainPoint, product, recType, extra string) (domain.RecommendationSet, error)
}

func (f *fakeAnalyzer) SuggestSubreddits(_ context.Context, topic string, isCustom bool) (domain.SubredditSuggestion, error) {
	if f.suggest == nil {
		return domain.SubredditSuggestion{}, nil
	}
	return f.suggest(topic, isCustom)
}

func (f *fakeAnalyzer) AnalyzePainPoints(_ context.Context, posts []domain.Post, product string) (domain.PainPointAnalysis, error) {
	if f.analyze == nil {
		return domain.PainPointAnalysis{}, nil
	}
	return f.analyze(posts, product)
}

func (f *fakeAnalyzer) GenerateRecommendations(_ context.Context, painPoints []domain.PainPoint, product, recType, extra string) (domain.RecommendationSet, error) {
	if f.recommend == nil {
		return domain.RecommendationSet{}, nil
	}
	return f.recommend(painPoints, product, recType, extra)
}

type fakeScraper struct {
	search func(query string, subreddits []string, limit int, timeFilter string) ([]domain.Post, error)
}

func (f *fakeScraper) Configured() bool { return true }

func (f *fakeScraper) Search(_ context.Context, query string, subreddits []string, limit int, timeFilter string, _ time.Duration) ([]domain.Post, error) {
	if f.search == nil {
		return nil, nil
	}
	return f.search(query, subreddits, limit, timeFilter)
}

func newRunners(store *memory.Store, analyzer domain.Analyzer, scraper domain.Scraper) *pipeline.Runners {
	reg := usecase.NewJobRegistry(store)
	ledger := usecase.NewCreditLedger(store, config.DefaultCosts())
	return pipeline.New(store, reg, ledger, analyzer, scraper, time.Second, defaultSubreddits)
}

func createJob(t *testing.T, store *memory.Store, userID string, typ domain.JobType, params domain.JobParameters) string {
	t.Helper()
	id, err := store.CreateJob(context.Background(), userID, typ, params)
	require.NoError(t, err)
	return id
}

func logSteps(j domain.Job) []string {
	steps := make([]string, 0, len(j.Logs))
	for _, e := range j.Logs {
		steps = append(steps, e.Step)
	}
	return steps
}

func requireLogOrder(t *testing.T, j domain.Job) {
	t.Helper()
	for i := 1; i < len(j.Logs); i++ {
		require.False(t, j.Logs[i].Timestamp.Before(j.Logs[i-1].Timestamp),
			"log %d precedes log %d", i, i-1)
	}
}

func samplePosts() []domain.Post {
	return []domain.Post{
		{ID: "a1", Title: "Notion sync is broken", Subreddit: "productivity", Score: 40, NumComments: 12},
		{ID: "a2", Title: "Why is Notion so slow", Subreddit: "productivity", Score: 25, NumComments: 8},
		{ID: "a3", Title: "Notion offline mode when", Subreddit: "productivity", Score: 10, NumComments: 3},
	}
}

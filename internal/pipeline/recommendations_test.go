package pipeline_test

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Lucas-Song-Dev/INSIGHT/internal/adapter/repo/memory"
	"github.com/Lucas-Song-Dev/INSIGHT/internal/domain"
)

func seedPainPoints(t *testing.T, store *memory.Store, userID, product string) {
	t.Helper()
	require.NoError(t, store.SavePainPoint(context.Background(), domain.PainPoint{
		UserID: userID, Product: product, Topic: "slow canvas", Severity: domain.SeverityHigh,
	}))
}

func TestRecommendations_DistinctTypesCoexist(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	store := memory.New(nil)
	store.PutUser(domain.User{ID: "dave", Credits: 10})
	seedPainPoints(t, store, "dave", "figma")

	analyzer := &fakeAnalyzer{
		recommend: func(_ []domain.PainPoint, _ string, recType, _ string) (domain.RecommendationSet, error) {
			return domain.RecommendationSet{
				Recommendations: []domain.Recommendation{{Title: "for " + recType}},
			}, nil
		},
	}
	r := newRunners(store, analyzer, &fakeScraper{})

	p1 := domain.RecommendationParams{Product: "figma", RecommendationType: domain.RecommendationImproveProduct}
	j1 := createJob(t, store, "dave", domain.JobTypeRecommendations, domain.JobParameters{Recommendations: &p1})
	r.Recommendations(ctx, j1, "dave", p1, 2)

	p2 := domain.RecommendationParams{Product: "figma", RecommendationType: domain.RecommendationNewFeature}
	j2 := createJob(t, store, "dave", domain.JobTypeRecommendations, domain.JobParameters{Recommendations: &p2})
	r.Recommendations(ctx, j2, "dave", p2, 2)

	for _, id := range []string{j1, j2} {
		j, err := store.GetJob(ctx, id)
		require.NoError(t, err)
		assert.Equal(t, domain.JobCompleted, j.State)
	}

	improve, err := store.GetRecommendations(ctx, "dave", "figma", domain.RecommendationImproveProduct)
	require.NoError(t, err)
	assert.Equal(t, domain.RecommendationImproveProduct, improve.RecommendationType)
	assert.Equal(t, "for improve_product", improve.Recommendations[0].Title)

	feature, err := store.GetRecommendations(ctx, "dave", "figma", domain.RecommendationNewFeature)
	require.NoError(t, err)
	assert.Equal(t, domain.RecommendationNewFeature, feature.RecommendationType)
	assert.Equal(t, "for new_feature", feature.Recommendations[0].Title)

	_, err = store.GetRecommendations(ctx, "dave", "figma", domain.RecommendationCompetingProduct)
	require.ErrorIs(t, err, domain.ErrNotFound)
}

func TestRecommendations_RegenerateOverwritesSameTypeOnly(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	store := memory.New(nil)
	store.PutUser(domain.User{ID: "dave", Credits: 10})
	seedPainPoints(t, store, "dave", "figma")
	require.NoError(t, store.SaveRecommendations(ctx, domain.RecommendationSet{
		UserID: "dave", Product: "figma", RecommendationType: domain.RecommendationImproveProduct,
		Recommendations: []domain.Recommendation{{Title: "stale"}},
	}))
	require.NoError(t, store.SaveRecommendations(ctx, domain.RecommendationSet{
		UserID: "dave", Product: "figma", RecommendationType: domain.RecommendationNewFeature,
		Recommendations: []domain.Recommendation{{Title: "untouched"}},
	}))

	analyzer := &fakeAnalyzer{
		recommend: func([]domain.PainPoint, string, string, string) (domain.RecommendationSet, error) {
			return domain.RecommendationSet{Recommendations: []domain.Recommendation{{Title: "fresh"}}}, nil
		},
	}
	r := newRunners(store, analyzer, &fakeScraper{})

	p := domain.RecommendationParams{Product: "figma", RecommendationType: domain.RecommendationImproveProduct, Regenerate: true}
	jobID := createJob(t, store, "dave", domain.JobTypeRecommendations, domain.JobParameters{Recommendations: &p})
	r.Recommendations(ctx, jobID, "dave", p, 1)

	improve, err := store.GetRecommendations(ctx, "dave", "figma", domain.RecommendationImproveProduct)
	require.NoError(t, err)
	assert.Equal(t, "fresh", improve.Recommendations[0].Title)

	feature, err := store.GetRecommendations(ctx, "dave", "figma", domain.RecommendationNewFeature)
	require.NoError(t, err)
	assert.Equal(t, "untouched", feature.Recommendations[0].Title)
}

func TestRecommendations_AnalyzerFailureRefunds(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	store := memory.New(nil)
	// dave had 5; the dispatcher debited 2 for a first-time run.
	store.PutUser(domain.User{ID: "dave", Credits: 3})
	seedPainPoints(t, store, "dave", "figma")

	analyzer := &fakeAnalyzer{
		recommend: func([]domain.PainPoint, string, string, string) (domain.RecommendationSet, error) {
			return domain.RecommendationSet{}, errors.New("upstream exploded")
		},
	}
	r := newRunners(store, analyzer, &fakeScraper{})

	p := domain.RecommendationParams{Product: "figma", RecommendationType: domain.RecommendationImproveProduct}
	jobID := createJob(t, store, "dave", domain.JobTypeRecommendations, domain.JobParameters{Recommendations: &p})
	r.Recommendations(ctx, jobID, "dave", p, 2)

	j, _ := store.GetJob(ctx, jobID)
	assert.Equal(t, domain.JobFailed, j.State)
	assert.Equal(t, "upstream exploded", j.Error)
	require.NotNil(t, j.CreditsUsed)
	assert.Equal(t, 2, *j.CreditsUsed)

	u, _ := store.FindUser(ctx, "dave")
	assert.Equal(t, 5, u.Credits)
}

func TestRecommendations_PainPointsGoneFails(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	store := memory.New(nil)
	store.PutUser(domain.User{ID: "dave", Credits: 5})
	r := newRunners(store, &fakeAnalyzer{}, &fakeScraper{})

	p := domain.RecommendationParams{Product: "figma", RecommendationType: domain.RecommendationImproveProduct}
	jobID := createJob(t, store, "dave", domain.JobTypeRecommendations, domain.JobParameters{Recommendations: &p})
	r.Recommendations(ctx, jobID, "dave", p, 2)

	j, _ := store.GetJob(ctx, jobID)
	assert.Equal(t, domain.JobFailed, j.State)
	assert.Contains(t, j.Error, "no pain points")
	// Failure refunds the admission debit.
	u, _ := store.FindUser(ctx, "dave")
	assert.Equal(t, 7, u.Credits)
}

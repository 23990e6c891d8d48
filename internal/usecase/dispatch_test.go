package usecase_test

import (
	"context"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Lucas-Song-Dev/INSIGHT/internal/adapter/repo/memory"
	"github.com/Lucas-Song-Dev/INSIGHT/internal/config"
	"github.com/Lucas-Song-Dev/INSIGHT/internal/domain"
	"github.com/Lucas-Song-Dev/INSIGHT/internal/usecase"
)

// stubRunner records runner invocations; an optional release channel keeps
// jobs pending so admission-time state can be asserted.
type stubRunner struct {
	mu      sync.Mutex
	calls   []string
	release chan struct{}
	done    chan string
}

func newStubRunner() *stubRunner { return &stubRunner{done: make(chan string, 16)} }

func (r *stubRunner) record(kind, jobID string) {
	r.mu.Lock()
	r.calls = append(r.calls, kind)
	r.mu.Unlock()
	if r.release != nil {
		<-r.release
	}
	r.done <- jobID
}

func (r *stubRunner) Scrape(_ context.Context, jobID, _ string, _ domain.ScrapeParams, _ int) {
	r.record("scrape", jobID)
}
func (r *stubRunner) Analysis(_ context.Context, jobID, _ string, _ domain.AnalysisParams, _ int) {
	r.record("analysis", jobID)
}
func (r *stubRunner) Recommendations(_ context.Context, jobID, _ string, _ domain.RecommendationParams, _ int) {
	r.record("recommendations", jobID)
}

type stubScraper struct{ configured bool }

func (s stubScraper) Configured() bool { return s.configured }
func (s stubScraper) Search(context.Context, string, []string, int, string, time.Duration) ([]domain.Post, error) {
	return nil, nil
}

func newDispatcher(store *memory.Store, runner usecase.PipelineRunner) *usecase.Dispatcher {
	ledger := usecase.NewCreditLedger(store, config.DefaultCosts())
	return &usecase.Dispatcher{
		Store:    store,
		Ledger:   ledger,
		Registry: usecase.NewJobRegistry(store),
		Workers:  usecase.NewWorkerRegistry(),
		Runners:  runner,
		Scraper:  stubScraper{configured: true},
	}
}

func waitForRunner(t *testing.T, r *stubRunner) string {
	t.Helper()
	select {
	case jobID := <-r.done:
		return jobID
	case <-time.After(2 * time.Second):
		t.Fatal("runner was not invoked")
		return ""
	}
}

func TestDispatcher_StartScrape_Admits(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	store := memory.New(nil)
	store.PutUser(domain.User{ID: "alice", Credits: 10})
	runner := newStubRunner()
	d := newDispatcher(store, runner)

	accepted, err := d.StartScrape(ctx, "alice", usecase.ScrapeRequest{
		Topic: "Notion", Limit: 10, TimeFilter: "day", Subreddits: []string{"r/productivity", " "},
	})
	require.NoError(t, err)
	assert.Equal(t, "Notion", accepted.Topic)
	assert.Equal(t, []string{"productivity"}, accepted.Subreddits)
	require.NotEmpty(t, accepted.JobID)

	// Cost for a ten-post day scrape is one credit.
	u, _ := store.FindUser(ctx, "alice")
	assert.Equal(t, 9, u.Credits)

	jobID := waitForRunner(t, runner)
	assert.Equal(t, accepted.JobID, jobID)

	j, err := store.GetJob(ctx, accepted.JobID)
	require.NoError(t, err)
	assert.Equal(t, domain.JobTypeScrape, j.Type)
	require.NotNil(t, j.Parameters.Scrape)
	assert.Equal(t, 10, j.Parameters.Scrape.Limit)
	assert.Equal(t, "day", j.Parameters.Scrape.TimeFilter)
}

func TestDispatcher_StartScrape_Validation(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	store := memory.New(nil)
	store.PutUser(domain.User{ID: "alice", Credits: 10})
	d := newDispatcher(store, newStubRunner())

	tests := []struct {
		name string
		req  usecase.ScrapeRequest
	}{
		{"missing topic", usecase.ScrapeRequest{Limit: 10}},
		{"limit too large", usecase.ScrapeRequest{Topic: "x", Limit: 1001}},
		{"limit negative", usecase.ScrapeRequest{Topic: "x", Limit: -1}},
		{"bad time filter", usecase.ScrapeRequest{Topic: "x", TimeFilter: "decade"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := d.StartScrape(ctx, "alice", tt.req)
			require.ErrorIs(t, err, domain.ErrInvalidArgument)
		})
	}

	// No state change on validation failure.
	u, _ := store.FindUser(ctx, "alice")
	assert.Equal(t, 10, u.Credits)
	jobs, _ := store.ListUserJobs(ctx, "alice", "")
	assert.Empty(t, jobs)
}

func TestDispatcher_StartScrape_CredentialsUnavailable(t *testing.T) {
	t.Parallel()
	store := memory.New(nil)
	store.PutUser(domain.User{ID: "alice", Credits: 10})
	d := newDispatcher(store, newStubRunner())
	d.Scraper = stubScraper{configured: false}

	_, err := d.StartScrape(context.Background(), "alice", usecase.ScrapeRequest{Topic: "Notion"})
	require.ErrorIs(t, err, domain.ErrCredentialsUnavailable)
}

func TestDispatcher_StartAnalysis_InsufficientCredits(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	store := memory.New(nil)
	store.PutUser(domain.User{ID: "bob", Credits: 0})
	require.NoError(t, store.SavePost(ctx, domain.Post{ID: "p1", Product: "slack"}))
	d := newDispatcher(store, newStubRunner())

	_, err := d.StartAnalysis(ctx, "bob", usecase.AnalysisRequest{Product: "Slack", Regenerate: true})
	require.ErrorIs(t, err, domain.ErrInsufficientCredits)
	var ice *domain.InsufficientCreditsError
	require.ErrorAs(t, err, &ice)
	assert.Equal(t, 1, ice.Required)
	assert.Equal(t, 0, ice.Available)

	// No job created, balance untouched.
	jobs, _ := store.ListUserJobs(ctx, "bob", "")
	assert.Empty(t, jobs)
	u, _ := store.FindUser(ctx, "bob")
	assert.Equal(t, 0, u.Credits)
}

func TestDispatcher_StartAnalysis_FirstRunIsFree(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	store := memory.New(nil)
	store.PutUser(domain.User{ID: "bob", Credits: 0})
	require.NoError(t, store.SavePost(ctx, domain.Post{ID: "p1", Product: "slack"}))
	runner := newStubRunner()
	d := newDispatcher(store, runner)

	accepted, err := d.StartAnalysis(ctx, "bob", usecase.AnalysisRequest{Product: "Slack"})
	require.NoError(t, err)
	assert.Equal(t, "slack", accepted.Product)
	waitForRunner(t, runner)
}

func TestDispatcher_StartAnalysis_NoPosts(t *testing.T) {
	t.Parallel()
	store := memory.New(nil)
	store.PutUser(domain.User{ID: "bob", Credits: 5})
	d := newDispatcher(store, newStubRunner())

	_, err := d.StartAnalysis(context.Background(), "bob", usecase.AnalysisRequest{Product: "Slack"})
	require.ErrorIs(t, err, domain.ErrNoPosts)
}

func TestDispatcher_StartAnalysis_RegenerateClearsArtifacts(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	store := memory.New(nil)
	store.PutUser(domain.User{ID: "carol", Credits: 5})
	require.NoError(t, store.SavePost(ctx, domain.Post{ID: "p1", Product: "jira"}))
	require.NoError(t, store.SaveAnalysis(ctx, domain.Analysis{UserID: "carol", Product: "jira", Summary: "old"}))
	require.NoError(t, store.SavePainPoint(ctx, domain.PainPoint{UserID: "carol", Product: "jira", Topic: "old pain"}))
	require.NoError(t, store.SaveRecommendations(ctx, domain.RecommendationSet{UserID: "carol", Product: "jira", RecommendationType: domain.RecommendationNewFeature}))
	runner := newStubRunner()
	d := newDispatcher(store, runner)

	_, err := d.StartAnalysis(ctx, "carol", usecase.AnalysisRequest{Product: "Jira", Regenerate: true})
	require.NoError(t, err)
	waitForRunner(t, runner)

	_, err = store.GetAnalysis(ctx, "carol", "jira")
	require.ErrorIs(t, err, domain.ErrNotFound)
	pps, _ := store.ListPainPoints(ctx, "carol", "jira")
	assert.Empty(t, pps)
	_, err = store.GetRecommendations(ctx, "carol", "jira", domain.RecommendationNewFeature)
	require.ErrorIs(t, err, domain.ErrNotFound)
}

func TestDispatcher_StartRecommendations_Validation(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	store := memory.New(nil)
	store.PutUser(domain.User{ID: "dave", Credits: 5})
	require.NoError(t, store.SavePainPoint(ctx, domain.PainPoint{UserID: "dave", Product: "figma", Topic: "slow"}))
	d := newDispatcher(store, newStubRunner())

	_, err := d.StartRecommendations(ctx, "dave", usecase.RecommendationsRequest{})
	require.ErrorIs(t, err, domain.ErrInvalidArgument)

	_, err = d.StartRecommendations(ctx, "dave", usecase.RecommendationsRequest{
		Products: []string{"Figma"}, RecommendationType: "world_domination",
	})
	require.ErrorIs(t, err, domain.ErrInvalidArgument)

	_, err = d.StartRecommendations(ctx, "dave", usecase.RecommendationsRequest{
		Products: []string{"Figma"}, Context: strings.Repeat("x", 501),
	})
	require.ErrorIs(t, err, domain.ErrInvalidArgument)
}

func TestDispatcher_StartRecommendations_NoPainPoints(t *testing.T) {
	t.Parallel()
	store := memory.New(nil)
	store.PutUser(domain.User{ID: "dave", Credits: 5})
	d := newDispatcher(store, newStubRunner())

	_, err := d.StartRecommendations(context.Background(), "dave", usecase.RecommendationsRequest{Products: []string{"Figma"}})
	require.ErrorIs(t, err, domain.ErrNoPainPoints)
}

func TestDispatcher_StartRecommendations_UsesFirstProduct(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	store := memory.New(nil)
	store.PutUser(domain.User{ID: "dave", Credits: 5})
	require.NoError(t, store.SavePainPoint(ctx, domain.PainPoint{UserID: "dave", Product: "figma", Topic: "slow"}))
	runner := newStubRunner()
	d := newDispatcher(store, runner)

	accepted, err := d.StartRecommendations(ctx, "dave", usecase.RecommendationsRequest{
		Products: []string{"Figma", "Sketch"},
	})
	require.NoError(t, err)
	assert.Equal(t, "figma", accepted.Product)
	assert.Equal(t, domain.RecommendationImproveProduct, accepted.RecommendationType)
	waitForRunner(t, runner)

	// First-time recommendations cost two credits.
	u, _ := store.FindUser(ctx, "dave")
	assert.Equal(t, 3, u.Credits)
}

func TestDispatcher_Cancel_RefundsOneCredit(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	store := memory.New(nil)
	store.PutUser(domain.User{ID: "eve", Credits: 3})
	require.NoError(t, store.SavePost(ctx, domain.Post{ID: "p1", Product: "slack"}))
	runner := newStubRunner()
	runner.release = make(chan struct{}) // hold the job pending
	d := newDispatcher(store, runner)

	accepted, err := d.StartAnalysis(ctx, "eve", usecase.AnalysisRequest{Product: "Slack", Regenerate: true})
	require.NoError(t, err)
	u, _ := store.FindUser(ctx, "eve")
	require.Equal(t, 2, u.Credits)

	res, err := d.Cancel(ctx, "eve", accepted.JobID)
	require.NoError(t, err)
	assert.Equal(t, accepted.JobID, res.JobID)
	assert.Equal(t, 3, res.NewCredits)

	j, _ := store.GetJob(ctx, accepted.JobID)
	assert.Equal(t, domain.JobCancelled, j.State)
	require.NotNil(t, j.CompletedAt)

	// A second cancel is rejected; the refund happened exactly once.
	_, err = d.Cancel(ctx, "eve", accepted.JobID)
	require.ErrorIs(t, err, domain.ErrConflict)
	u, _ = store.FindUser(ctx, "eve")
	assert.Equal(t, 3, u.Credits)

	close(runner.release)
	waitForRunner(t, runner)
}

func TestDispatcher_Cancel_Authorization(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	store := memory.New(nil)
	store.PutUser(domain.User{ID: "eve", Credits: 3})
	store.PutUser(domain.User{ID: "mallory", Credits: 3})
	require.NoError(t, store.SavePost(ctx, domain.Post{ID: "p1", Product: "slack"}))
	runner := newStubRunner()
	runner.release = make(chan struct{})
	d := newDispatcher(store, runner)

	accepted, err := d.StartAnalysis(ctx, "eve", usecase.AnalysisRequest{Product: "Slack"})
	require.NoError(t, err)

	_, err = d.Cancel(ctx, "mallory", accepted.JobID)
	require.ErrorIs(t, err, domain.ErrForbidden)

	_, err = d.Cancel(ctx, "eve", "missing-job")
	require.ErrorIs(t, err, domain.ErrNotFound)

	close(runner.release)
	waitForRunner(t, runner)
}

func TestDispatcher_Products(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	store := memory.New(nil)
	reg := usecase.NewJobRegistry(store)
	_, err := reg.Create(ctx, "alice", domain.JobTypeScrape, domain.JobParameters{Scrape: &domain.ScrapeParams{Topic: "Notion"}})
	require.NoError(t, err)
	_, err = reg.Create(ctx, "alice", domain.JobTypeAnalysis, domain.JobParameters{Analysis: &domain.AnalysisParams{Product: "notion"}})
	require.NoError(t, err)
	_, err = reg.Create(ctx, "alice", domain.JobTypeRecommendations, domain.JobParameters{Recommendations: &domain.RecommendationParams{Product: "Figma"}})
	require.NoError(t, err)
	d := newDispatcher(store, newStubRunner())

	products, err := d.Products(ctx, "alice")
	require.NoError(t, err)
	assert.Equal(t, []string{"figma", "notion"}, products)
}

func TestDispatcher_ScrapeStatusTracksWorkers(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	store := memory.New(nil)
	store.PutUser(domain.User{ID: "alice", Credits: 10})
	runner := newStubRunner()
	runner.release = make(chan struct{})
	d := newDispatcher(store, runner)

	accepted, err := d.StartScrape(ctx, "alice", usecase.ScrapeRequest{Topic: "Notion", Limit: 10})
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		active, workers := d.ScrapeStatus(ctx, "alice")
		return active && len(workers) == 1 && workers[0].JobID == accepted.JobID && workers[0].Alive
	}, time.Second, 10*time.Millisecond)

	close(runner.release)
	waitForRunner(t, runner)

	require.Eventually(t, func() bool {
		active, workers := d.ScrapeStatus(ctx, "alice")
		return !active && len(workers) == 0
	}, time.Second, 10*time.Millisecond)
}

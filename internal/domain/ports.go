package domain

import "time"

// JobPatch carries the optional fields a state transition writes alongside
// the new state. Nil fields are left untouched.
type JobPatch struct {
	Results     *JobResults
	Error       *string
	CreditsUsed *int
	StartedAt   *time.Time
	CompletedAt *time.Time
}

// UserStore is the capability boundary over user rows. Concurrent
// DebitCredits calls are linearizable on the credits field.
type UserStore interface {
	// FindUser retrieves a user by id.
	FindUser(ctx Context, id string) (User, error)
	// DebitCredits atomically updates the user matching {id, credits >= cost}
	// with credits -= cost, returning the post-image. It reports
	// ErrInsufficientCredits when the precondition failed and ErrNotFound when
	// no such user exists. This is the sole allowed debit primitive.
	DebitCredits(ctx Context, userID string, cost int) (User, error)
	// CreditCredits unconditionally adds amount to the user's balance.
	CreditCredits(ctx Context, userID string, amount int) error
}

// JobStore is the capability boundary over job rows.
type JobStore interface {
	// CreateJob inserts a pending job and returns its id.
	CreateJob(ctx Context, userID string, typ JobType, params JobParameters) (string, error)
	// GetJob retrieves a job (logs included) by id.
	GetJob(ctx Context, id string) (Job, error)
	// UpdateJobState sets the state and any patch fields in one write, guarded
	// by the from-state set: when the job's current state is not in from, no
	// write happens and ErrConflict is reported. Transitions to in_progress
	// default StartedAt to now; transitions to a terminal state default
	// CompletedAt to now. Transient storage errors are retried with
	// exponential backoff up to a bounded number of attempts.
	UpdateJobState(ctx Context, id string, from []JobState, to JobState, patch JobPatch) error
	// AppendJobLog appends one entry to the job's log sequence. A successful
	// append is broadcast through the store's registered LogPublisher.
	AppendJobLog(ctx Context, id string, entry LogEntry) error
	// ListUserJobs returns the user's jobs newest first, optionally filtered
	// by state ("" means all).
	ListUserJobs(ctx Context, userID string, state JobState) ([]Job, error)
	// FindStuckJobs returns in_progress jobs whose StartedAt and pending jobs
	// whose CreatedAt are older than cutoff.
	FindStuckJobs(ctx Context, cutoff time.Time) (inProgress, pending []Job, err error)
}

// ProductStore is the capability boundary over scraped posts and synthesized
// product artifacts. Every operation is single-document-atomic.
type ProductStore interface {
	// SavePost upserts a post by its external id.
	SavePost(ctx Context, p Post) error
	// ListPostsByProduct returns up to limit posts for a product key.
	ListPostsByProduct(ctx Context, product string, limit int) ([]Post, error)
	// CountPostsByProduct returns the number of posts stored for a product key.
	CountPostsByProduct(ctx Context, product string) (int, error)

	// SavePainPoint upserts a pain point keyed by a stable hash of
	// (user, product, topic).
	SavePainPoint(ctx Context, pp PainPoint) error
	// ListPainPoints returns the pain points for (user, product).
	ListPainPoints(ctx Context, userID, product string) ([]PainPoint, error)
	// DeletePainPointsByProduct removes all pain points for (user, product).
	DeletePainPointsByProduct(ctx Context, userID, product string) error

	// SaveAnalysis upserts the single analysis document for (user, product).
	SaveAnalysis(ctx Context, a Analysis) error
	// GetAnalysis retrieves the analysis document for (user, product).
	GetAnalysis(ctx Context, userID, product string) (Analysis, error)
	// DeleteAnalysisByProduct removes the analysis document for (user, product).
	DeleteAnalysisByProduct(ctx Context, userID, product string) error

	// SaveRecommendations upserts the document for
	// (user, product, recommendation_type); other types are untouched.
	SaveRecommendations(ctx Context, rs RecommendationSet) error
	// GetRecommendations retrieves the document for
	// (user, product, recommendation_type).
	GetRecommendations(ctx Context, userID, product, recommendationType string) (RecommendationSet, error)
	// DeleteRecommendationsByProduct removes all recommendation documents
	// (every type) for (user, product).
	DeleteRecommendationsByProduct(ctx Context, userID, product string) error
}

// Store aggregates the persistence capabilities the engine needs.
type Store interface {
	UserStore
	JobStore
	ProductStore
}

// LogPublisher receives successfully appended job log entries for broadcast.
// Implementations must not block the appending worker.
type LogPublisher interface {
	Publish(jobID string, entry LogEntry)
}

// SubredditSuggestion is the analyzer's answer to a subreddit discovery
// request. RecommendedTimeFilter and Strategy are only populated for custom
// prompts.
type SubredditSuggestion struct {
	Subreddits            []string
	SearchQueries         []string
	RecommendedTimeFilter string
	Strategy              string
}

// PainPointAnalysis is the analyzer's synthesized output for a post set.
type PainPointAnalysis struct {
	PainPoints []PainPoint
	Summary    string
}

// Analyzer abstracts the LLM provider used for subreddit discovery,
// pain-point analysis, and recommendation generation.
type Analyzer interface {
	// SuggestSubreddits returns subreddits and search queries for a topic.
	SuggestSubreddits(ctx Context, topic string, isCustom bool) (SubredditSuggestion, error)
	// AnalyzePainPoints synthesizes pain points from scraped posts.
	AnalyzePainPoints(ctx Context, posts []Post, product string) (PainPointAnalysis, error)
	// GenerateRecommendations produces a recommendation set of the given type
	// from existing pain points; extra is optional caller-supplied context.
	GenerateRecommendations(ctx Context, painPoints []PainPoint, product, recommendationType, extra string) (RecommendationSet, error)
}

// Scraper abstracts the Reddit client.
type Scraper interface {
	// Configured reports whether API credentials are available.
	Configured() bool
	// Search runs one query across the given subreddits, bounding each
	// subreddit search by perSubredditTimeout. Individual subreddit failures
	// are skipped; Search only fails when nothing could be attempted.
	Search(ctx Context, query string, subreddits []string, limit int, timeFilter string, perSubredditTimeout time.Duration) ([]Post, error)
}

// Package domain defines core entities, ports, and domain-specific errors.
package domain

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// Error taxonomy (sentinels)
var (
	ErrInvalidArgument        = errors.New("invalid argument")
	ErrNotFound               = errors.New("not found")
	ErrForbidden              = errors.New("forbidden")
	ErrConflict               = errors.New("conflict")
	ErrInsufficientCredits    = errors.New("insufficient credits")
	ErrNoPosts                = errors.New("no posts found")
	ErrNoPainPoints           = errors.New("no pain points found")
	ErrCredentialsUnavailable = errors.New("credentials unavailable")
	ErrUpstreamTimeout        = errors.New("upstream timeout")
	ErrInternal               = errors.New("internal error")
)

// InsufficientCreditsError carries the amounts needed for the user-facing
// insufficient-credits response. It matches ErrInsufficientCredits under
// errors.Is.
type InsufficientCreditsError struct {
	Required  int
	Available int
}

func (e *InsufficientCreditsError) Error() string {
	return fmt.Sprintf("insufficient credits: required %d, available %d", e.Required, e.Available)
}

// Is reports whether target is the ErrInsufficientCredits sentinel.
func (e *InsufficientCreditsError) Is(target error) bool { return target == ErrInsufficientCredits }

// User is the domain model for an account with a credit balance.
// Credits is the only field the engine mutates; all mutations go through the
// store's atomic primitives.
type User struct {
	// ID is the unique account identifier (the authenticated user_id).
	ID string
	// PasswordHash is opaque to the engine; auth lives outside the core.
	PasswordHash string
	// Email is an optional profile field.
	Email string
	// Credits is the non-negative balance gating job admission.
	Credits int
	// CreatedAt is the account creation timestamp.
	CreatedAt time.Time
	// LastLogin is the most recent authentication timestamp.
	LastLogin time.Time
}

// JobType enumerates the pipeline job types.
type JobType string

// Job types.
const (
	JobTypeScrape          JobType = "scrape"
	JobTypeAnalysis        JobType = "analysis"
	JobTypeRecommendations JobType = "recommendations"
)

// ValidJobType reports whether t names a known job type.
func ValidJobType(t JobType) bool {
	switch t {
	case JobTypeScrape, JobTypeAnalysis, JobTypeRecommendations:
		return true
	}
	return false
}

// JobState captures the lifecycle state of a pipeline job.
type JobState string

// Job states. Transitions form a DAG:
// pending → in_progress → {completed, failed}; pending → cancelled;
// in_progress → cancelled. Terminal states admit no further transitions.
const (
	JobPending    JobState = "pending"
	JobInProgress JobState = "in_progress"
	JobCompleted  JobState = "completed"
	JobFailed     JobState = "failed"
	JobCancelled  JobState = "cancelled"
)

// Terminal reports whether s is a terminal state.
func (s JobState) Terminal() bool {
	return s == JobCompleted || s == JobFailed || s == JobCancelled
}

// LogEntry is one append-only pipeline step record on a job.
type LogEntry struct {
	// Step is a short stable identifier for the pipeline phase
	// (e.g. "subreddits", "search_queries", "save_posts", "completed", "failed").
	Step string `json:"step"`
	// Message is the human-readable progress line.
	Message string `json:"message"`
	// Details is an optional structured payload.
	Details any `json:"details,omitempty"`
	// Timestamp is when the entry was emitted.
	Timestamp time.Time `json:"timestamp"`
}

// Job is the domain model for a unit of asynchronous work.
type Job struct {
	// ID is the opaque unique job identifier.
	ID string
	// UserID is the owning account.
	UserID string
	// Type selects the pipeline runner.
	Type JobType
	// State is the current lifecycle state.
	State JobState
	// Parameters is the typed per-type parameter record.
	Parameters JobParameters
	// Results is set by a terminal-success transition.
	Results *JobResults
	// Error is set by a terminal-failure transition.
	Error string
	// CreditsUsed records the admission debit; set at most once, by a
	// terminal transition.
	CreditsUsed *int
	// CreatedAt is when the job record was created (state = pending).
	CreatedAt time.Time
	// StartedAt is set by the pending → in_progress transition.
	StartedAt *time.Time
	// CompletedAt is set by any terminal transition.
	CompletedAt *time.Time
	// Logs is the ordered append-only step log.
	Logs []LogEntry
}

// Severity levels for pain points.
const (
	SeverityHigh   = "high"
	SeverityMedium = "medium"
	SeverityLow    = "low"
)

// Post is a raw scraped Reddit item, attributed to the product (topic) whose
// scrape job found it.
type Post struct {
	// ID is the external (Reddit) post id and the storage key.
	ID          string    `json:"id"`
	Title       string    `json:"title"`
	Content     string    `json:"content"`
	Author      string    `json:"author"`
	Subreddit   string    `json:"subreddit"`
	URL         string    `json:"url"`
	CreatedUTC  time.Time `json:"created_utc"`
	Score       int       `json:"score"`
	NumComments int       `json:"num_comments"`
	// Product is the lowercased trimmed topic this post was scraped for.
	Product string `json:"product"`
}

// PainPoint is one synthesized issue for a (user, product) pair. The set is
// replaced wholesale on re-analysis.
type PainPoint struct {
	UserID             string   `json:"user_id"`
	Product            string   `json:"product"`
	Topic              string   `json:"topic"`
	Description        string   `json:"description"`
	Severity           string   `json:"severity"`
	PotentialSolutions string   `json:"potential_solutions"`
	RelatedKeywords    []string `json:"related_keywords"`
}

// Analysis is the single synthesized pain-point document per (user, product).
type Analysis struct {
	UserID     string      `json:"user_id"`
	Product    string      `json:"product"`
	PainPoints []PainPoint `json:"pain_points"`
	Summary    string      `json:"summary"`
	CreatedAt  time.Time   `json:"created_at"`
}

// Recommendation types.
const (
	RecommendationImproveProduct   = "improve_product"
	RecommendationNewFeature       = "new_feature"
	RecommendationCompetingProduct = "competing_product"
)

// ValidRecommendationType reports whether t names a known recommendation type.
func ValidRecommendationType(t string) bool {
	switch t {
	case RecommendationImproveProduct, RecommendationNewFeature, RecommendationCompetingProduct:
		return true
	}
	return false
}

// Recommendation is one actionable suggestion inside a recommendation set.
type Recommendation struct {
	Title                string   `json:"title"`
	Description          string   `json:"description"`
	Complexity           string   `json:"complexity"`
	Impact               string   `json:"impact"`
	AddressesPainPoints  []string `json:"addresses_pain_points,omitempty"`
	MostRecentOccurrence string   `json:"most_recent_occurence,omitempty"`
}

// RecommendationSet is the single document per
// (user, product, recommendation_type); distinct types coexist for the same
// (user, product) and are never overwritten across types.
type RecommendationSet struct {
	UserID             string           `json:"user_id"`
	Product            string           `json:"product"`
	RecommendationType string           `json:"recommendation_type"`
	Recommendations    []Recommendation `json:"recommendations"`
	Summary            string           `json:"summary"`
	CreatedAt          time.Time        `json:"created_at"`
}

// Context is a type alias to stdlib context.Context for convenience across layers.
type Context = context.Context

package domain

import (
	"crypto/sha256"
	"encoding/hex"
	"strings"
)

// Time filters accepted by scrape jobs.
var TimeFilters = map[string]bool{
	"hour": true, "day": true, "week": true,
	"month": true, "year": true, "all": true,
}

// NormalizeProduct lowercases and trims a product name into the key used for
// all product-scoped artifacts.
func NormalizeProduct(p string) string { return strings.ToLower(strings.TrimSpace(p)) }

// PainPointID derives the stable storage key for a pain point from
// (user, product, topic).
func PainPointID(userID, product, topic string) string {
	h := sha256.Sum256([]byte(userID + "|" + NormalizeProduct(product) + "|" + topic))
	return hex.EncodeToString(h[:])
}

// ScrapeParams are the parameters of a scrape job.
type ScrapeParams struct {
	Topic      string   `json:"topic"`
	Limit      int      `json:"limit"`
	TimeFilter string   `json:"time_filter"`
	IsCustom   bool     `json:"is_custom"`
	Subreddits []string `json:"subreddits,omitempty"`
}

// AnalysisParams are the parameters of an analysis job.
type AnalysisParams struct {
	Product             string `json:"product"`
	MaxPosts            int    `json:"max_posts"`
	SkipRecommendations bool   `json:"skip_recommendations"`
	Regenerate          bool   `json:"regenerate"`
}

// RecommendationParams are the parameters of a recommendations job.
type RecommendationParams struct {
	Product            string `json:"product"`
	RecommendationType string `json:"recommendation_type"`
	Regenerate         bool   `json:"regenerate"`
	Context            string `json:"context,omitempty"`
}

// JobParameters is the tagged parameter variant: exactly one arm is set,
// matching the job's Type. It persists as a single schemaless document, but
// in-core code always operates on the typed arm.
type JobParameters struct {
	Scrape          *ScrapeParams         `json:"scrape,omitempty"`
	Analysis        *AnalysisParams       `json:"analysis,omitempty"`
	Recommendations *RecommendationParams `json:"recommendations,omitempty"`
}

// ScrapeResults summarizes a completed scrape job.
type ScrapeResults struct {
	PostsCount      int      `json:"posts_count"`
	TotalPostsFound int      `json:"total_posts_found"`
	SubredditsUsed  []string `json:"subreddits_used"`
	Topic           string   `json:"topic"`
	DurationMinutes float64  `json:"duration_minutes"`
}

// AnalysisResults summarizes a completed analysis job.
type AnalysisResults struct {
	PainPointsCount      int     `json:"pain_points_count"`
	RecommendationsCount int     `json:"recommendations_count"`
	Product              string  `json:"product"`
	DurationMinutes      float64 `json:"duration_minutes"`
}

// RecommendationResults summarizes a completed recommendations job.
type RecommendationResults struct {
	Product              string `json:"product"`
	RecommendationType   string `json:"recommendation_type"`
	RecommendationsCount int    `json:"recommendations_count"`
}

// JobResults is the tagged result variant paired with JobParameters.
type JobResults struct {
	Scrape          *ScrapeResults         `json:"scrape,omitempty"`
	Analysis        *AnalysisResults       `json:"analysis,omitempty"`
	Recommendations *RecommendationResults `json:"recommendations,omitempty"`
}

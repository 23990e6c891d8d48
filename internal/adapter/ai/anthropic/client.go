// Package anthropic implements the Analyzer port against the Anthropic
// Messages API.
package anthropic

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	backoff "github.com/cenkalti/backoff/v4"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"github.com/Lucas-Song-Dev/INSIGHT/internal/config"
	"github.com/Lucas-Song-Dev/INSIGHT/internal/domain"
)

const (
	anthropicVersion = "2023-06-01"
	// maxPostsPerPrompt caps the posts included in an analysis prompt to stay
	// within model token limits.
	maxPostsPerPrompt = 50
	// maxPostContentChars truncates long post bodies inside prompts.
	maxPostContentChars = 500
	maxAttempts         = 3
)

// Client talks to the Anthropic Messages API over plain HTTP.
type Client struct {
	cfg config.Config
	hc  *http.Client
}

// New constructs a Client from configuration.
func New(cfg config.Config) *Client {
	// Trace outbound analyzer calls with OpenTelemetry.
	transport := otelhttp.NewTransport(http.DefaultTransport,
		otelhttp.WithSpanNameFormatter(func(_ string, r *http.Request) string {
			return fmt.Sprintf("AI %s %s", r.Method, r.URL.Host)
		}),
	)
	return &Client{
		cfg: cfg,
		hc:  &http.Client{Timeout: 90 * time.Second, Transport: transport},
	}
}

var _ domain.Analyzer = (*Client)(nil)

// Configured reports whether an API key is available.
func (c *Client) Configured() bool { return c.cfg.AnthropicAPIKey != "" }

type messagesRequest struct {
	Model     string    `json:"model"`
	MaxTokens int       `json:"max_tokens"`
	Messages  []message `json:"messages"`
}

type message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type messagesResponse struct {
	Content []struct {
		Type string `json:"type"`
		Text string `json:"text"`
	} `json:"content"`
	Error *struct {
		Type    string `json:"type"`
		Message string `json:"message"`
	} `json:"error"`
}

// completeJSON sends one prompt and returns the model's text, retrying
// transient failures with exponential backoff.
func (c *Client) completeJSON(ctx context.Context, prompt string, maxTokens int) (string, error) {
	if !c.Configured() {
		return "", fmt.Errorf("op=anthropic.complete: %w", domain.ErrCredentialsUnavailable)
	}
	body, err := json.Marshal(messagesRequest{
		Model:     c.cfg.AnthropicModel,
		MaxTokens: maxTokens,
		Messages:  []message{{Role: "user", Content: prompt}},
	})
	if err != nil {
		return "", fmt.Errorf("op=anthropic.complete.marshal: %w", err)
	}

	var text string
	op := func() error {
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.cfg.AnthropicBaseURL+"/v1/messages", bytes.NewReader(body))
		if err != nil {
			return backoff.Permanent(err)
		}
		req.Header.Set("Content-Type", "application/json")
		req.Header.Set("x-api-key", c.cfg.AnthropicAPIKey)
		req.Header.Set("anthropic-version", anthropicVersion)

		resp, err := c.hc.Do(req)
		if err != nil {
			if ctx.Err() != nil {
				return backoff.Permanent(fmt.Errorf("%w: %v", domain.ErrUpstreamTimeout, err))
			}
			return err // network errors are retryable
		}
		defer func() { _ = resp.Body.Close() }()
		raw, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
		if err != nil {
			return err
		}
		if resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500 {
			return fmt.Errorf("anthropic status %d: %s", resp.StatusCode, snippet(raw))
		}
		if resp.StatusCode != http.StatusOK {
			return backoff.Permanent(fmt.Errorf("anthropic status %d: %s", resp.StatusCode, snippet(raw)))
		}
		var mr messagesResponse
		if err := json.Unmarshal(raw, &mr); err != nil {
			return backoff.Permanent(fmt.Errorf("decode response: %w", err))
		}
		if mr.Error != nil {
			return backoff.Permanent(fmt.Errorf("anthropic error %s: %s", mr.Error.Type, mr.Error.Message))
		}
		if len(mr.Content) == 0 {
			return backoff.Permanent(fmt.Errorf("empty response content"))
		}
		text = mr.Content[0].Text
		return nil
	}

	bo := backoff.WithContext(backoff.WithMaxRetries(backoff.NewExponentialBackOff(), maxAttempts-1), ctx)
	if err := backoff.Retry(op, bo); err != nil {
		return "", fmt.Errorf("op=anthropic.complete: %w", err)
	}
	return text, nil
}

// extractJSON strips markdown code fences the model sometimes wraps its JSON
// answer in.
func extractJSON(content string) string {
	content = strings.TrimSpace(content)
	if i := strings.Index(content, "```json"); i >= 0 {
		content = content[i+len("```json"):]
		if j := strings.Index(content, "```"); j >= 0 {
			content = content[:j]
		}
		return strings.TrimSpace(content)
	}
	if i := strings.Index(content, "```"); i >= 0 {
		content = content[i+3:]
		if j := strings.Index(content, "```"); j >= 0 {
			content = content[:j]
		}
	}
	return strings.TrimSpace(content)
}

func snippet(b []byte) string {
	const n = 200
	if len(b) > n {
		b = b[:n]
	}
	return string(b)
}

// SuggestSubreddits asks the model for relevant subreddits and search queries
// for a topic. Errors fall through to the caller, which substitutes the
// configured default subreddit set.
func (c *Client) SuggestSubreddits(ctx context.Context, topic string, isCustom bool) (domain.SubredditSuggestion, error) {
	var prompt string
	if isCustom {
		prompt = fmt.Sprintf(`You are helping to discover insights based on this custom prompt: %q

Please analyze this prompt and suggest:
1. 5-10 relevant subreddit names (just the subreddit name, without r/ prefix, no explanations)
2. 8-12 search query variations that would find relevant discussions
3. The best time filter: "hour", "day", "week", "month", "year", or "all"
4. A recommended search strategy (brief description)

Respond with valid JSON in this exact format:
{
    "subreddits": ["subreddit1", "subreddit2"],
    "search_queries": ["query 1", "query 2"],
    "recommended_time_filter": "week",
    "strategy": "Brief description of search strategy"
}

Focus on finding the most relevant discussions that would help answer or explore: %q
Make search queries diverse to capture different angles: pain points, opportunities, features, alternatives, market needs.`, topic, topic)
	} else {
		prompt = fmt.Sprintf(`You are helping to find relevant Reddit subreddits and search queries for: %q

Please suggest:
1. 5-10 relevant subreddit names (just the subreddit name, without r/ prefix, no explanations)
2. 8-12 search query variations that would find relevant discussions about this topic on Reddit

For search queries, include variations for problems, issues, complaints, bugs, feature requests,
alternatives, comparisons, reviews, market gaps, use cases, and pricing discussions.

Respond with valid JSON in this exact format:
{
    "subreddits": ["subreddit1", "subreddit2"],
    "search_queries": ["query 1", "query 2"]
}

Focus on subreddits where users would discuss, complain about, ask questions, or share experiences about %q.`, topic, topic)
	}

	text, err := c.completeJSON(ctx, prompt, 1000)
	if err != nil {
		return domain.SubredditSuggestion{}, err
	}
	var out struct {
		Subreddits            []string `json:"subreddits"`
		SearchQueries         []string `json:"search_queries"`
		RecommendedTimeFilter string   `json:"recommended_time_filter"`
		Strategy              string   `json:"strategy"`
	}
	if err := json.Unmarshal([]byte(extractJSON(text)), &out); err != nil {
		return domain.SubredditSuggestion{}, fmt.Errorf("op=anthropic.suggest_subreddits.parse: %w", err)
	}
	slog.Info("analyzer suggested subreddits",
		slog.String("topic", topic),
		slog.Int("subreddits", len(out.Subreddits)),
		slog.Int("queries", len(out.SearchQueries)))
	return domain.SubredditSuggestion{
		Subreddits:            out.Subreddits,
		SearchQueries:         out.SearchQueries,
		RecommendedTimeFilter: out.RecommendedTimeFilter,
		Strategy:              out.Strategy,
	}, nil
}

// AnalyzePainPoints asks the model for up to ten pain points clearly tied to
// the product from the given posts. Every pain point in the reply is
// returned; the count is not capped here.
func (c *Client) AnalyzePainPoints(ctx context.Context, posts []domain.Post, product string) (domain.PainPointAnalysis, error) {
	if len(posts) == 0 {
		return domain.PainPointAnalysis{Summary: "No posts to analyze"}, nil
	}
	type promptPost struct {
		Title       string `json:"title"`
		Content     string `json:"content"`
		Score       int    `json:"score"`
		NumComments int    `json:"num_comments"`
	}
	sample := posts
	if len(sample) > maxPostsPerPrompt {
		sample = sample[:maxPostsPerPrompt]
	}
	pp := make([]promptPost, 0, len(sample))
	for _, p := range sample {
		content := p.Content
		if len(content) > maxPostContentChars {
			content = content[:maxPostContentChars]
		}
		pp = append(pp, promptPost{Title: p.Title, Content: content, Score: p.Score, NumComments: p.NumComments})
	}
	postsJSON, err := json.MarshalIndent(pp, "", "  ")
	if err != nil {
		return domain.PainPointAnalysis{}, fmt.Errorf("op=anthropic.analyze.marshal: %w", err)
	}

	prompt := fmt.Sprintf(`Analyze the following Reddit posts that may be related to %s. Your task is to identify up to 10 distinct pain points that users have clearly associated with %s. Do not include general complaints unless they are specifically tied to %s.

%s

For each pain point, provide:
1. A concise name (max 3-5 words)
2. A detailed description of the issue
3. The severity level (high, medium, low)
4. Potential solutions or workarounds
5. Related keywords or phrases that frequently appear

Respond with valid JSON in this exact format:
{
    "common_pain_points": [
        {
            "name": "Pain point name",
            "description": "Detailed description",
            "severity": "high|medium|low",
            "potential_solutions": "Suggestions for addressing this issue",
            "related_keywords": ["keyword1", "keyword2"]
        }
    ],
    "analysis_summary": "Brief overview of your findings"
}

Skip any that are not clearly connected to %s.`, product, product, product, postsJSON, product)

	text, err := c.completeJSON(ctx, prompt, 2000)
	if err != nil {
		return domain.PainPointAnalysis{}, err
	}
	var out struct {
		CommonPainPoints []struct {
			Name               string   `json:"name"`
			Description        string   `json:"description"`
			Severity           string   `json:"severity"`
			PotentialSolutions string   `json:"potential_solutions"`
			RelatedKeywords    []string `json:"related_keywords"`
		} `json:"common_pain_points"`
		AnalysisSummary string `json:"analysis_summary"`
	}
	if err := json.Unmarshal([]byte(extractJSON(text)), &out); err != nil {
		return domain.PainPointAnalysis{}, fmt.Errorf("op=anthropic.analyze.parse: %w", err)
	}
	result := domain.PainPointAnalysis{Summary: out.AnalysisSummary}
	for _, p := range out.CommonPainPoints {
		severity := strings.ToLower(p.Severity)
		switch severity {
		case domain.SeverityHigh, domain.SeverityMedium, domain.SeverityLow:
		default:
			severity = domain.SeverityMedium
		}
		result.PainPoints = append(result.PainPoints, domain.PainPoint{
			Product:            domain.NormalizeProduct(product),
			Topic:              p.Name,
			Description:        p.Description,
			Severity:           severity,
			PotentialSolutions: p.PotentialSolutions,
			RelatedKeywords:    p.RelatedKeywords,
		})
	}
	slog.Info("analyzer identified pain points", slog.String("product", product), slog.Int("count", len(result.PainPoints)))
	return result, nil
}

// GenerateRecommendations produces a typed recommendation set from the
// product's pain points.
func (c *Client) GenerateRecommendations(ctx context.Context, painPoints []domain.PainPoint, product, recommendationType, extra string) (domain.RecommendationSet, error) {
	if len(painPoints) == 0 {
		return domain.RecommendationSet{Summary: "No pain points to analyze"}, nil
	}
	ppJSON, err := json.MarshalIndent(painPoints, "", "  ")
	if err != nil {
		return domain.RecommendationSet{}, fmt.Errorf("op=anthropic.recommend.marshal: %w", err)
	}

	var goal string
	switch recommendationType {
	case domain.RecommendationNewFeature:
		goal = fmt.Sprintf("new features %s could add to address these issues", product)
	case domain.RecommendationCompetingProduct:
		goal = fmt.Sprintf("a competing product that could win over %s users frustrated by these issues", product)
	default:
		goal = fmt.Sprintf("how %s itself could be improved to address these issues", product)
	}

	prompt := fmt.Sprintf(`Based on the following pain points identified for %s:

%s

Generate actionable recommendations focused on %s.`, product, ppJSON, goal)
	if extra != "" {
		prompt += fmt.Sprintf("\n\nAdditional context from the requester: %s", extra)
	}
	prompt += `

For each recommendation, provide:
1. A concise title
2. Detailed description of the solution
3. Implementation complexity (high, medium, low)
4. Potential impact on user experience (high, medium, low)

Respond with valid JSON in this exact format:
{
    "recommendations": [
        {
            "title": "Recommendation title",
            "description": "Detailed description",
            "complexity": "high|medium|low",
            "impact": "high|medium|low",
            "addresses_pain_points": ["pain point name 1"]
        }
    ],
    "summary": "Brief overview of your recommendations"
}`

	text, err := c.completeJSON(ctx, prompt, 2000)
	if err != nil {
		return domain.RecommendationSet{}, err
	}
	var out struct {
		Recommendations []domain.Recommendation `json:"recommendations"`
		Summary         string                  `json:"summary"`
	}
	if err := json.Unmarshal([]byte(extractJSON(text)), &out); err != nil {
		return domain.RecommendationSet{}, fmt.Errorf("op=anthropic.recommend.parse: %w", err)
	}
	slog.Info("analyzer generated recommendations",
		slog.String("product", product),
		slog.String("type", recommendationType),
		slog.Int("count", len(out.Recommendations)))
	return domain.RecommendationSet{
		Product:            domain.NormalizeProduct(product),
		RecommendationType: recommendationType,
		Recommendations:    out.Recommendations,
		Summary:            out.Summary,
		CreatedAt:          time.Now().UTC(),
	}, nil
}

// Package reddit implements the Scraper port against the Reddit API using
// application-only OAuth.
package reddit

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"github.com/Lucas-Song-Dev/INSIGHT/internal/config"
	"github.com/Lucas-Song-Dev/INSIGHT/internal/domain"
)

const (
	defaultAuthBase = "https://www.reddit.com"
	defaultAPIBase  = "https://oauth.reddit.com"
	// interSubredditDelay spaces consecutive subreddit searches to stay
	// polite with the API.
	interSubredditDelay = 2 * time.Second
)

// Client searches Reddit with client-credentials OAuth. Individual subreddit
// failures (timeouts, 404s, transport errors) are skipped; Search only fails
// when no subreddit could be attempted at all.
type Client struct {
	cfg      config.Config
	hc       *http.Client
	authBase string
	apiBase  string
	delay    time.Duration

	mu          sync.Mutex
	accessToken string
	tokenExpiry time.Time
}

// New constructs a Client from configuration.
func New(cfg config.Config) *Client {
	// Trace outbound Reddit calls with OpenTelemetry.
	transport := otelhttp.NewTransport(http.DefaultTransport,
		otelhttp.WithSpanNameFormatter(func(_ string, r *http.Request) string {
			return fmt.Sprintf("Reddit %s %s", r.Method, r.URL.Host)
		}),
	)
	return &Client{
		cfg:      cfg,
		hc:       &http.Client{Timeout: 30 * time.Second, Transport: transport},
		authBase: defaultAuthBase,
		apiBase:  defaultAPIBase,
		delay:    interSubredditDelay,
	}
}

var _ domain.Scraper = (*Client)(nil)

// Configured reports whether API credentials are available.
func (c *Client) Configured() bool {
	return c.cfg.RedditClientID != "" && c.cfg.RedditClientSecret != ""
}

// token returns a cached application-only token, refreshing when expired.
func (c *Client) token(ctx context.Context) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.accessToken != "" && time.Now().Before(c.tokenExpiry) {
		return c.accessToken, nil
	}
	form := url.Values{"grant_type": {"client_credentials"}}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.authBase+"/api/v1/access_token", strings.NewReader(form.Encode()))
	if err != nil {
		return "", fmt.Errorf("op=reddit.token: %w", err)
	}
	req.SetBasicAuth(c.cfg.RedditClientID, c.cfg.RedditClientSecret)
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.Header.Set("User-Agent", c.cfg.RedditUserAgent)

	resp, err := c.hc.Do(req)
	if err != nil {
		return "", fmt.Errorf("op=reddit.token: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()
	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return "", fmt.Errorf("op=reddit.token: status %d: %s", resp.StatusCode, body)
	}
	var tr struct {
		AccessToken string `json:"access_token"`
		ExpiresIn   int    `json:"expires_in"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&tr); err != nil {
		return "", fmt.Errorf("op=reddit.token.decode: %w", err)
	}
	if tr.AccessToken == "" {
		return "", fmt.Errorf("op=reddit.token: empty token: %w", domain.ErrCredentialsUnavailable)
	}
	c.accessToken = tr.AccessToken
	// Renew a minute early.
	c.tokenExpiry = time.Now().Add(time.Duration(tr.ExpiresIn)*time.Second - time.Minute)
	return c.accessToken, nil
}

type listing struct {
	Data struct {
		Children []struct {
			Data struct {
				ID          string  `json:"id"`
				Title       string  `json:"title"`
				Selftext    string  `json:"selftext"`
				Author      string  `json:"author"`
				Subreddit   string  `json:"subreddit"`
				URL         string  `json:"url"`
				CreatedUTC  float64 `json:"created_utc"`
				Score       int     `json:"score"`
				NumComments int     `json:"num_comments"`
			} `json:"data"`
		} `json:"children"`
	} `json:"data"`
}

// Search runs one query across the given subreddits, bounding each subreddit
// search by perSubredditTimeout and continuing past individual failures.
func (c *Client) Search(ctx context.Context, query string, subreddits []string, limit int, timeFilter string, perSubredditTimeout time.Duration) ([]domain.Post, error) {
	if !c.Configured() {
		return nil, fmt.Errorf("op=reddit.search: %w", domain.ErrCredentialsUnavailable)
	}
	if len(subreddits) == 0 {
		return nil, fmt.Errorf("op=reddit.search: no subreddits: %w", domain.ErrInvalidArgument)
	}
	if limit < 1 {
		limit = 1
	}
	if perSubredditTimeout <= 0 {
		perSubredditTimeout = 300 * time.Second
	}

	var posts []domain.Post
	attempted := 0
	for i, sub := range subreddits {
		if ctx.Err() != nil {
			break
		}
		subCtx, cancel := context.WithTimeout(ctx, perSubredditTimeout)
		found, err := c.searchSubreddit(subCtx, sub, query, limit, timeFilter)
		cancel()
		attempted++
		if err != nil {
			slog.Warn("subreddit search failed, skipping",
				slog.String("subreddit", sub),
				slog.String("query", query),
				slog.Any("error", err))
			continue
		}
		posts = append(posts, found...)
		if i < len(subreddits)-1 && c.delay > 0 {
			select {
			case <-ctx.Done():
			case <-time.After(c.delay):
			}
		}
	}
	if attempted == 0 {
		return nil, fmt.Errorf("op=reddit.search: %w", ctx.Err())
	}
	slog.Info("reddit search finished",
		slog.String("query", query),
		slog.Int("subreddits", len(subreddits)),
		slog.Int("posts", len(posts)))
	return posts, nil
}

func (c *Client) searchSubreddit(ctx context.Context, subreddit, query string, limit int, timeFilter string) ([]domain.Post, error) {
	tok, err := c.token(ctx)
	if err != nil {
		return nil, err
	}
	q := url.Values{
		"q":           {query},
		"restrict_sr": {"1"},
		"sort":        {"relevance"},
		"limit":       {strconv.Itoa(limit)},
	}
	if domain.TimeFilters[timeFilter] {
		q.Set("t", timeFilter)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, fmt.Sprintf("%s/r/%s/search?%s", c.apiBase, url.PathEscape(subreddit), q.Encode()), nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Authorization", "Bearer "+tok)
	req.Header.Set("User-Agent", c.cfg.RedditUserAgent)

	resp, err := c.hc.Do(req)
	if err != nil {
		if ctx.Err() == context.DeadlineExceeded {
			return nil, fmt.Errorf("%w: subreddit %s", domain.ErrUpstreamTimeout, subreddit)
		}
		return nil, err
	}
	defer func() { _ = resp.Body.Close() }()
	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return nil, fmt.Errorf("subreddit %s: status %d: %s", subreddit, resp.StatusCode, body)
	}
	var l listing
	if err := json.NewDecoder(resp.Body).Decode(&l); err != nil {
		return nil, fmt.Errorf("subreddit %s: decode: %w", subreddit, err)
	}
	posts := make([]domain.Post, 0, len(l.Data.Children))
	for _, ch := range l.Data.Children {
		d := ch.Data
		posts = append(posts, domain.Post{
			ID:          d.ID,
			Title:       d.Title,
			Content:     d.Selftext,
			Author:      d.Author,
			Subreddit:   d.Subreddit,
			URL:         d.URL,
			CreatedUTC:  time.Unix(int64(d.CreatedUTC), 0).UTC(),
			Score:       d.Score,
			NumComments: d.NumComments,
		})
	}
	return posts, nil
}

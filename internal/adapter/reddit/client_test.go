package reddit

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Lucas-Song-Dev/INSIGHT/internal/config"
	"github.com/Lucas-Song-Dev/INSIGHT/internal/domain"
)

func newTestClient(t *testing.T, apiHandler http.HandlerFunc) (*Client, *atomic.Int32) {
	t.Helper()
	var tokenCalls atomic.Int32
	auth := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		tokenCalls.Add(1)
		user, pass, ok := r.BasicAuth()
		require.True(t, ok)
		assert.Equal(t, "id", user)
		assert.Equal(t, "secret", pass)
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]any{"access_token": "tok", "expires_in": 3600})
	}))
	t.Cleanup(auth.Close)
	api := httptest.NewServer(apiHandler)
	t.Cleanup(api.Close)

	c := New(config.Config{
		RedditClientID:     "id",
		RedditClientSecret: "secret",
		RedditUserAgent:    "insight-test/1.0",
	})
	c.authBase = auth.URL
	c.apiBase = api.URL
	c.delay = 0
	return c, &tokenCalls
}

func listingReply(w http.ResponseWriter, posts ...map[string]any) {
	children := make([]map[string]any, 0, len(posts))
	for _, p := range posts {
		children = append(children, map[string]any{"data": p})
	}
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]any{"data": map[string]any{"children": children}})
}

func TestSearch_ParsesListing(t *testing.T) {
	t.Parallel()
	c, tokenCalls := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "Bearer tok", r.Header.Get("Authorization"))
		assert.Equal(t, "/r/productivity/search", r.URL.Path)
		assert.Equal(t, "notion slow", r.URL.Query().Get("q"))
		assert.Equal(t, "1", r.URL.Query().Get("restrict_sr"))
		assert.Equal(t, "day", r.URL.Query().Get("t"))
		listingReply(w, map[string]any{
			"id": "abc", "title": "Notion is slow", "selftext": "body",
			"author": "u1", "subreddit": "productivity", "url": "https://reddit.com/abc",
			"created_utc": float64(1700000000), "score": 42, "num_comments": 7,
		})
	})

	posts, err := c.Search(context.Background(), "notion slow", []string{"productivity"}, 10, "day", time.Second)
	require.NoError(t, err)
	require.Len(t, posts, 1)
	assert.Equal(t, "abc", posts[0].ID)
	assert.Equal(t, "Notion is slow", posts[0].Title)
	assert.Equal(t, "productivity", posts[0].Subreddit)
	assert.Equal(t, 42, posts[0].Score)
	assert.Equal(t, int64(1700000000), posts[0].CreatedUTC.Unix())
	assert.Equal(t, int32(1), tokenCalls.Load())
}

func TestSearch_TokenIsCachedAcrossSubreddits(t *testing.T) {
	t.Parallel()
	c, tokenCalls := newTestClient(t, func(w http.ResponseWriter, _ *http.Request) {
		listingReply(w)
	})

	_, err := c.Search(context.Background(), "q", []string{"a", "b"}, 5, "week", time.Second)
	require.NoError(t, err)
	assert.Equal(t, int32(1), tokenCalls.Load())
}

func TestSearch_SkipsFailingSubreddits(t *testing.T) {
	t.Parallel()
	c, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/r/broken/search" {
			http.NotFound(w, r)
			return
		}
		listingReply(w, map[string]any{"id": "ok1", "title": "fine"})
	})

	posts, err := c.Search(context.Background(), "q", []string{"broken", "working"}, 5, "week", time.Second)
	require.NoError(t, err)
	require.Len(t, posts, 1)
	assert.Equal(t, "ok1", posts[0].ID)
}

func TestSearch_Unconfigured(t *testing.T) {
	t.Parallel()
	c := New(config.Config{})
	assert.False(t, c.Configured())
	_, err := c.Search(context.Background(), "q", []string{"a"}, 5, "week", time.Second)
	require.ErrorIs(t, err, domain.ErrCredentialsUnavailable)
}

func TestSearch_RequiresSubreddits(t *testing.T) {
	t.Parallel()
	c, _ := newTestClient(t, func(w http.ResponseWriter, _ *http.Request) { listingReply(w) })
	_, err := c.Search(context.Background(), "q", nil, 5, "week", time.Second)
	require.ErrorIs(t, err, domain.ErrInvalidArgument)
}

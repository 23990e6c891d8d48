package config_test

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Lucas-Song-Dev/INSIGHT/internal/config"
)

func TestLoad_Defaults(t *testing.T) {
	cfg, err := config.Load()
	require.NoError(t, err)

	assert.Equal(t, "dev", cfg.AppEnv)
	assert.True(t, cfg.IsDev())
	assert.Equal(t, 8080, cfg.Port)
	assert.Equal(t, 300*time.Second, cfg.WatchdogInterval)
	assert.Equal(t, 30*time.Minute, cfg.JobTimeout)
	assert.Equal(t, 300*time.Second, cfg.SubredditTimeout)
	assert.Contains(t, cfg.DefaultSubreddits, "programming")
	assert.Equal(t, "claude-3-haiku-20240307", cfg.AnthropicModel)
}

func TestLoad_Overrides(t *testing.T) {
	t.Setenv("APP_ENV", "prod")
	t.Setenv("JOB_TIMEOUT", "5m")
	t.Setenv("DEFAULT_SUBREDDITS", "golang,rust")

	cfg, err := config.Load()
	require.NoError(t, err)
	assert.True(t, cfg.IsProd())
	assert.Equal(t, 5*time.Minute, cfg.JobTimeout)
	assert.Equal(t, []string{"golang", "rust"}, cfg.DefaultSubreddits)
}

func TestCosts_Defaults(t *testing.T) {
	costs := config.DefaultCosts()
	assert.Equal(t, 1, costs.AnalysisRegenerate)
	assert.Equal(t, 2, costs.RecommendationsFirst)
	assert.Equal(t, 1, costs.RecommendationsRegenerate)
	assert.Equal(t, 1, costs.CancelRefund)
}

func TestCosts_YAMLOverride(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "costs.yaml")
	require.NoError(t, os.WriteFile(path, []byte("recommendations_first: 5\ncancel_refund: 2\n"), 0o600))
	t.Setenv("COST_CONFIG_PATH", path)

	cfg, err := config.Load()
	require.NoError(t, err)
	costs, err := cfg.Costs()
	require.NoError(t, err)
	assert.Equal(t, 5, costs.RecommendationsFirst)
	assert.Equal(t, 2, costs.CancelRefund)
	// Untouched keys keep their defaults.
	assert.Equal(t, 1, costs.AnalysisRegenerate)
}

func TestCosts_MissingFileSurfaces(t *testing.T) {
	t.Setenv("COST_CONFIG_PATH", "/nonexistent/costs.yaml")
	cfg, err := config.Load()
	require.NoError(t, err)
	_, err = cfg.Costs()
	require.Error(t, err)
}

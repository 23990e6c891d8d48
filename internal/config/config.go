// Package config defines configuration parsing and helpers.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/caarlos0/env/v10"
)

// Config holds all application configuration parsed from environment variables.
type Config struct {
	AppEnv string `env:"APP_ENV" envDefault:"dev"`
	Port   int    `env:"PORT" envDefault:"8080"`
	// DBURL is the Postgres connection string. When empty the server runs on
	// the in-memory store (development only).
	DBURL string `env:"DB_URL" envDefault:""`
	// DBMaxConns and DBConnIdleTime size the connection pool.
	DBMaxConns     int           `env:"DB_MAX_CONNS" envDefault:"10"`
	DBConnIdleTime time.Duration `env:"DB_CONN_IDLE_TIME" envDefault:"5m"`

	AnthropicAPIKey  string `env:"ANTHROPIC_API_KEY"`
	AnthropicBaseURL string `env:"ANTHROPIC_BASE_URL" envDefault:"https://api.anthropic.com"`
	AnthropicModel   string `env:"ANTHROPIC_MODEL" envDefault:"claude-3-haiku-20240307"`

	RedditClientID     string `env:"REDDIT_CLIENT_ID"`
	RedditClientSecret string `env:"REDDIT_CLIENT_SECRET"`
	RedditUserAgent    string `env:"REDDIT_USER_AGENT" envDefault:"insight-engine/1.0"`

	// WatchdogInterval is how often the stuck-job sweep runs.
	WatchdogInterval time.Duration `env:"WATCHDOG_INTERVAL" envDefault:"300s"`
	// JobTimeout is the wall-clock age past which in_progress and pending
	// jobs are reaped.
	JobTimeout time.Duration `env:"JOB_TIMEOUT" envDefault:"30m"`
	// SubredditTimeout bounds each per-subreddit search inside a scrape.
	SubredditTimeout time.Duration `env:"SUBREDDIT_TIMEOUT" envDefault:"300s"`
	// DefaultSubreddits is the fallback set when neither the caller nor the
	// analyzer supplies one.
	DefaultSubreddits []string `env:"DEFAULT_SUBREDDITS" envSeparator:"," envDefault:"programming,webdev,learnprogramming,coding,javascript,python,reactjs,vscode,IDE,developers"`

	// CostConfigPath optionally points at a YAML credit-cost override table.
	CostConfigPath string `env:"COST_CONFIG_PATH" envDefault:""`

	// LogBusBuffer is the per-subscriber buffered-entry capacity.
	LogBusBuffer int `env:"LOGBUS_BUFFER" envDefault:"64"`

	OTLPEndpoint    string `env:"OTEL_EXPORTER_OTLP_ENDPOINT" envDefault:""`
	OTELServiceName string `env:"OTEL_SERVICE_NAME" envDefault:"insight-engine"`

	CORSAllowOrigins      string        `env:"CORS_ALLOW_ORIGINS" envDefault:"*"`
	RateLimitPerMin       int           `env:"RATE_LIMIT_PER_MIN" envDefault:"30"`
	ServerShutdownTimeout time.Duration `env:"SERVER_SHUTDOWN_TIMEOUT" envDefault:"30s"`
	HTTPReadTimeout       time.Duration `env:"HTTP_READ_TIMEOUT" envDefault:"15s"`
	HTTPWriteTimeout      time.Duration `env:"HTTP_WRITE_TIMEOUT" envDefault:"30s"`
	HTTPIdleTimeout       time.Duration `env:"HTTP_IDLE_TIMEOUT" envDefault:"60s"`
}

// Load parses environment variables into a Config.
func Load() (Config, error) {
	var cfg Config
	if err := env.Parse(&cfg); err != nil {
		return Config{}, fmt.Errorf("op=config.Load: %w", err)
	}
	return cfg, nil
}

// IsDev reports whether the app is running in development mode.
func (c Config) IsDev() bool { return strings.ToLower(c.AppEnv) == "dev" }

// IsProd reports whether the app is running in production mode.
func (c Config) IsProd() bool { return strings.ToLower(c.AppEnv) == "prod" }

package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

const (
	defaultPort                 = "8080"
	defaultFrontendOrigin       = "https://household.sanetomore.com"
	defaultOpenRouterBaseURL    = "https://openrouter.ai/api/v1"
	defaultOpenRouterModel      = "openai/gpt-4o-mini"
	defaultBraveBaseURL         = "https://api.search.brave.com/res/v1"
	defaultSerperBaseURL        = "https://google.serper.dev"
	defaultSearchProviders      = "brave,openrouter_web,serper"
	defaultResearchConcurrency  = 3
	defaultSearchMinIntervalMS  = 250
	defaultSourceTimeoutSeconds = 12
	defaultSourceMaxBytes       = 1_500_000
	defaultTemporalHostPort     = "localhost:7233"
	defaultTemporalNamespace    = "default"
	defaultTemporalTaskQueue    = "research-runs"
)

const (
	ExecutorLocal    = "local"
	ExecutorTemporal = "temporal"
)

type Config struct {
	Port           string
	Environment    string
	LogLevel       string
	FrontendOrigin string
	AllowedOrigins []string

	TursoDatabaseURL string
	TursoAuthToken   string

	OpenRouterAPIKey        string
	OpenRouterBaseURL       string
	OpenRouterResearchModel string

	BraveAPIKey   string
	BraveBaseURL  string
	SerperAPIKey  string
	SerperBaseURL string

	SearchProviders     []string
	ResearchConcurrency int
	SearchMinInterval   time.Duration
	SourceFetchTimeout  time.Duration
	SourceMaxBytes      int64
	TrustedDomains      []string

	Executor          string
	TemporalHostPort  string
	TemporalNamespace string
	TemporalTaskQueue string
	RedisURL          string

	ReportArchiveBucket string
}

func (c Config) ListenAddress() string {
	return fmt.Sprintf(":%s", c.Port)
}

// Load reads configuration from the environment, optionally layered over the
// file named by CONFIG_PATH.
func Load() (Config, error) {
	v := viper.New()
	v.AutomaticEnv()
	setDefaults(v)

	if path := strings.TrimSpace(v.GetString("CONFIG_PATH")); path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return Config{}, fmt.Errorf("read config file %q: %w", path, err)
		}
	}

	cfg := Config{
		Port:                    stringValue(v, "PORT"),
		Environment:             stringValue(v, "APP_ENV"),
		LogLevel:                stringValue(v, "LOG_LEVEL"),
		FrontendOrigin:          stringValue(v, "FRONTEND_ORIGIN"),
		TursoDatabaseURL:        stringValue(v, "TURSO_DATABASE_URL"),
		TursoAuthToken:          stringValue(v, "TURSO_AUTH_TOKEN"),
		OpenRouterAPIKey:        stringValue(v, "OPENROUTER_API_KEY"),
		OpenRouterBaseURL:       stringValue(v, "OPENROUTER_BASE_URL"),
		OpenRouterResearchModel: stringValue(v, "OPENROUTER_RESEARCH_MODEL"),
		BraveAPIKey:             stringValue(v, "BRAVE_API_KEY"),
		BraveBaseURL:            stringValue(v, "BRAVE_BASE_URL"),
		SerperAPIKey:            stringValue(v, "SERPER_API_KEY"),
		SerperBaseURL:           stringValue(v, "SERPER_BASE_URL"),
		ResearchConcurrency:     v.GetInt("RESEARCH_CONCURRENCY"),
		SearchMinInterval:       time.Duration(v.GetInt("RESEARCH_SEARCH_MIN_INTERVAL_MS")) * time.Millisecond,
		SourceFetchTimeout:      time.Duration(v.GetInt("RESEARCH_SOURCE_TIMEOUT_SECONDS")) * time.Second,
		SourceMaxBytes:          v.GetInt64("RESEARCH_SOURCE_MAX_BYTES"),
		TrustedDomains:          parseList(stringValue(v, "RESEARCH_TRUSTED_DOMAINS")),
		Executor:                strings.ToLower(stringValue(v, "RESEARCH_EXECUTOR")),
		TemporalHostPort:        stringValue(v, "TEMPORAL_HOST_PORT"),
		TemporalNamespace:       stringValue(v, "TEMPORAL_NAMESPACE"),
		TemporalTaskQueue:       stringValue(v, "TEMPORAL_TASK_QUEUE"),
		RedisURL:                stringValue(v, "REDIS_URL"),
		ReportArchiveBucket:     stringValue(v, "REPORT_ARCHIVE_BUCKET"),
	}

	origins := parseList(v.GetString("CORS_ALLOWED_ORIGINS"))
	if len(origins) == 0 {
		origins = parseList(cfg.FrontendOrigin + ",http://localhost:5173,http://localhost:4173")
	}
	cfg.AllowedOrigins = origins

	cfg.SearchProviders = parseList(strings.ToLower(stringValue(v, "RESEARCH_SEARCH_PROVIDERS")))
	if len(cfg.SearchProviders) == 0 {
		return Config{}, errors.New("RESEARCH_SEARCH_PROVIDERS must name at least one provider")
	}
	if cfg.ResearchConcurrency < 1 {
		return Config{}, errors.New("RESEARCH_CONCURRENCY must be >= 1")
	}
	if cfg.SearchMinInterval < 0 {
		cfg.SearchMinInterval = 0
	}
	if cfg.SourceFetchTimeout <= 0 {
		cfg.SourceFetchTimeout = defaultSourceTimeoutSeconds * time.Second
	}
	if cfg.SourceMaxBytes <= 0 {
		cfg.SourceMaxBytes = defaultSourceMaxBytes
	}

	if cfg.TursoDatabaseURL == "" {
		return Config{}, errors.New("TURSO_DATABASE_URL is required")
	}
	if strings.HasPrefix(cfg.TursoDatabaseURL, "libsql://") && cfg.TursoAuthToken == "" {
		return Config{}, errors.New("TURSO_AUTH_TOKEN is required for libsql:// URLs")
	}
	switch cfg.Executor {
	case ExecutorLocal:
	case ExecutorTemporal:
		if cfg.TemporalHostPort == "" || cfg.TemporalTaskQueue == "" {
			return Config{}, errors.New("TEMPORAL_HOST_PORT and TEMPORAL_TASK_QUEUE are required for the temporal executor")
		}
	default:
		return Config{}, fmt.Errorf("RESEARCH_EXECUTOR must be %q or %q", ExecutorLocal, ExecutorTemporal)
	}

	return cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("PORT", defaultPort)
	v.SetDefault("APP_ENV", "development")
	v.SetDefault("LOG_LEVEL", "info")
	v.SetDefault("FRONTEND_ORIGIN", defaultFrontendOrigin)
	v.SetDefault("OPENROUTER_BASE_URL", defaultOpenRouterBaseURL)
	v.SetDefault("OPENROUTER_RESEARCH_MODEL", defaultOpenRouterModel)
	v.SetDefault("BRAVE_BASE_URL", defaultBraveBaseURL)
	v.SetDefault("SERPER_BASE_URL", defaultSerperBaseURL)
	v.SetDefault("RESEARCH_SEARCH_PROVIDERS", defaultSearchProviders)
	v.SetDefault("RESEARCH_CONCURRENCY", defaultResearchConcurrency)
	v.SetDefault("RESEARCH_SEARCH_MIN_INTERVAL_MS", defaultSearchMinIntervalMS)
	v.SetDefault("RESEARCH_SOURCE_TIMEOUT_SECONDS", defaultSourceTimeoutSeconds)
	v.SetDefault("RESEARCH_SOURCE_MAX_BYTES", defaultSourceMaxBytes)
	v.SetDefault("RESEARCH_EXECUTOR", ExecutorLocal)
	v.SetDefault("TEMPORAL_HOST_PORT", defaultTemporalHostPort)
	v.SetDefault("TEMPORAL_NAMESPACE", defaultTemporalNamespace)
	v.SetDefault("TEMPORAL_TASK_QUEUE", defaultTemporalTaskQueue)
}

func stringValue(v *viper.Viper, key string) string {
	return strings.TrimSpace(v.GetString(key))
}

func parseList(raw string) []string {
	items := strings.Split(raw, ",")
	out := make([]string, 0, len(items))
	for _, item := range items {
		trimmed := strings.TrimSpace(item)
		if trimmed != "" {
			out = append(out, trimmed)
		}
	}
	return out
}

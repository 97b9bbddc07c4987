package research

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"household/backend/internal/brave"
	"household/backend/internal/metrics"
	"household/backend/internal/openrouter"
	"household/backend/internal/serper"
)

const (
	ProviderBrave         = "brave"
	ProviderSerper        = "serper"
	ProviderOpenRouterWeb = "openrouter_web"

	searchEarlyStopTarget = 6
)

type SearchRequest struct {
	Query       string
	RecencyDays int
	Limit       int
}

// SearchProvider is one named search backend.
type SearchProvider interface {
	Name() string
	Search(ctx context.Context, req SearchRequest) ([]SearchCandidate, error)
}

type braveSearcher interface {
	Search(ctx context.Context, q brave.Query) ([]brave.SearchResult, error)
}

type serperSearcher interface {
	Search(ctx context.Context, query string, count, recencyDays int) ([]serper.SearchResult, error)
}

type rateLimitedError interface {
	error
	RateLimited() bool
}

type webSearcher interface {
	WebSearch(ctx context.Context, req openrouter.WebSearchRequest) ([]openrouter.WebResult, error)
}

type BraveProvider struct {
	client braveSearcher
}

func NewBraveProvider(client braveSearcher) BraveProvider {
	return BraveProvider{client: client}
}

func (BraveProvider) Name() string { return ProviderBrave }

func (p BraveProvider) Search(ctx context.Context, req SearchRequest) ([]SearchCandidate, error) {
	results, err := p.client.Search(ctx, brave.Query{Text: req.Query, Count: req.Limit, RecencyDays: req.RecencyDays})
	if err != nil {
		return nil, err
	}
	out := make([]SearchCandidate, 0, len(results))
	for _, result := range results {
		out = append(out, SearchCandidate{
			URL:         result.URL,
			Title:       result.Title,
			Snippet:     result.Snippet,
			PublishedAt: result.PublishedAt,
			Relevance:   rankRelevance(result.Rank, len(results)),
			Provider:    ProviderBrave,
			Query:       req.Query,
		})
	}
	return out, nil
}

type SerperProvider struct {
	client serperSearcher
}

func NewSerperProvider(client serperSearcher) SerperProvider {
	return SerperProvider{client: client}
}

func (SerperProvider) Name() string { return ProviderSerper }

func (p SerperProvider) Search(ctx context.Context, req SearchRequest) ([]SearchCandidate, error) {
	results, err := p.client.Search(ctx, req.Query, req.Limit, req.RecencyDays)
	if err != nil {
		return nil, err
	}
	out := make([]SearchCandidate, 0, len(results))
	for _, result := range results {
		out = append(out, SearchCandidate{
			URL:         result.URL,
			Title:       result.Title,
			Snippet:     result.Snippet,
			PublishedAt: result.PublishedAt,
			Relevance:   rankRelevance(result.Position, len(results)),
			Provider:    ProviderSerper,
			Query:       req.Query,
		})
	}
	return out, nil
}

// ModelWebSearchProvider asks the model's web tool for sources. It reports no
// relevance, so the selector scores its hits from the default.
type ModelWebSearchProvider struct {
	client webSearcher
}

func NewModelWebSearchProvider(client webSearcher) ModelWebSearchProvider {
	return ModelWebSearchProvider{client: client}
}

func (ModelWebSearchProvider) Name() string { return ProviderOpenRouterWeb }

func (p ModelWebSearchProvider) Search(ctx context.Context, req SearchRequest) ([]SearchCandidate, error) {
	results, err := p.client.WebSearch(ctx, openrouter.WebSearchRequest{
		Query:       req.Query,
		MaxResults:  req.Limit,
		RecencyDays: req.RecencyDays,
	})
	if err != nil {
		return nil, err
	}
	out := make([]SearchCandidate, 0, len(results))
	for _, result := range results {
		out = append(out, SearchCandidate{
			URL:      result.URL,
			Title:    result.Title,
			Snippet:  result.Snippet,
			Provider: ProviderOpenRouterWeb,
			Query:    req.Query,
		})
	}
	return out, nil
}

// rankRelevance maps a 1-based result position to a score in [0.4, 0.8].
func rankRelevance(rank, total int) *float64 {
	if rank <= 0 || total <= 0 {
		return nil
	}
	score := 0.8
	if total > 1 {
		score = 0.8 - 0.4*float64(rank-1)/float64(total-1)
	}
	score = clampScore(score)
	return &score
}

// SearchRegistry holds the configured providers in their base order.
type SearchRegistry struct {
	providers []SearchProvider
	limiters  map[string]*rate.Limiter
	logger    *zap.Logger
}

// NewSearchRegistry keeps the providers named in order, skipping names with no
// registered implementation. A positive minInterval spaces calls per provider.
func NewSearchRegistry(order []string, available []SearchProvider, minInterval time.Duration, logger *zap.Logger) *SearchRegistry {
	if logger == nil {
		logger = zap.NewNop()
	}
	byName := make(map[string]SearchProvider, len(available))
	for _, provider := range available {
		if provider == nil {
			continue
		}
		byName[provider.Name()] = provider
	}

	registry := &SearchRegistry{limiters: make(map[string]*rate.Limiter), logger: logger}
	for _, name := range order {
		name = strings.ToLower(strings.TrimSpace(name))
		provider, ok := byName[name]
		if !ok {
			logger.Warn("search provider not available", zap.String("provider", name))
			continue
		}
		if _, dup := registry.limiters[name]; dup {
			continue
		}
		registry.providers = append(registry.providers, provider)
		limit := rate.Inf
		if minInterval > 0 {
			limit = rate.Every(minInterval)
		}
		registry.limiters[name] = rate.NewLimiter(limit, 1)
	}
	return registry
}

func (r *SearchRegistry) Names() []string {
	names := make([]string, 0, len(r.providers))
	for _, provider := range r.providers {
		names = append(names, provider.Name())
	}
	return names
}

// Rotated returns the provider order shifted left by offset.
func (r *SearchRegistry) Rotated(offset int) []SearchProvider {
	n := len(r.providers)
	if n == 0 {
		return nil
	}
	shift := ((offset % n) + n) % n
	out := make([]SearchProvider, 0, n)
	out = append(out, r.providers[shift:]...)
	out = append(out, r.providers[:shift]...)
	return out
}

// Search queries providers in an order rotated by subQuestionIndex+retryIndex
// and stops once enough distinct URLs are collected. Provider failures are
// logged and count as empty results.
func (r *SearchRegistry) Search(ctx context.Context, req SearchRequest, subQuestionIndex, retryIndex int) []SearchCandidate {
	if r == nil {
		return nil
	}
	limit := req.Limit
	if limit <= 0 {
		limit = searchEarlyStopTarget
	}
	target := min(searchEarlyStopTarget, limit)

	seen := make(map[string]struct{}, limit)
	out := make([]SearchCandidate, 0, limit)
	for _, provider := range r.Rotated(subQuestionIndex + retryIndex) {
		if len(out) >= target {
			break
		}
		if ctx.Err() != nil {
			break
		}
		results := r.callProvider(ctx, provider, req)
		for _, candidate := range results {
			key := canonicalOrRawURL(candidate.URL)
			if key == "" {
				continue
			}
			if _, ok := seen[key]; ok {
				continue
			}
			seen[key] = struct{}{}
			out = append(out, candidate)
			if len(out) >= limit {
				break
			}
		}
	}
	return out
}

func (r *SearchRegistry) callProvider(ctx context.Context, provider SearchProvider, req SearchRequest) (results []SearchCandidate) {
	name := provider.Name()
	start := time.Now()
	defer func() {
		if recovered := recover(); recovered != nil {
			r.logger.Error("search provider panicked",
				zap.String("provider", name),
				zap.Any("panic", recovered),
			)
			metrics.SearchProviderCalls.WithLabelValues(name, "error").Inc()
			results = nil
		}
	}()

	if limiter := r.limiters[name]; limiter != nil {
		if err := limiter.Wait(ctx); err != nil {
			metrics.SearchProviderCalls.WithLabelValues(name, "error").Inc()
			return nil
		}
	}

	results, err := provider.Search(ctx, req)
	metrics.SearchProviderLatency.WithLabelValues(name).Observe(time.Since(start).Seconds())
	if err != nil {
		outcome := "error"
		var throttled rateLimitedError
		if errors.As(err, &throttled) && throttled.RateLimited() {
			outcome = "rate_limited"
		}
		metrics.SearchProviderCalls.WithLabelValues(name, outcome).Inc()
		r.logger.Warn("search provider failed",
			zap.String("provider", name),
			zap.String("query", req.Query),
			zap.String("outcome", outcome),
			zap.Int64("elapsed_ms", time.Since(start).Milliseconds()),
			zap.Error(err),
		)
		return nil
	}
	outcome := "ok"
	if len(results) == 0 {
		outcome = "empty"
	}
	metrics.SearchProviderCalls.WithLabelValues(name, outcome).Inc()
	return results
}

// seenSet is the run-wide URL set shared by sub-question workers.
type seenSet struct {
	mu   sync.Mutex
	urls map[string]struct{}
}

func newSeenSet() *seenSet {
	return &seenSet{urls: make(map[string]struct{})}
}

func (s *seenSet) snapshot() map[string]struct{} {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[string]struct{}, len(s.urls))
	for key := range s.urls {
		out[key] = struct{}{}
	}
	return out
}

// claim marks the URLs as seen and returns the ones not seen before.
func (s *seenSet) claim(urls []string) []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, 0, len(urls))
	for _, raw := range urls {
		key := canonicalOrRawURL(raw)
		if _, ok := s.urls[key]; ok {
			continue
		}
		s.urls[key] = struct{}{}
		out = append(out, raw)
	}
	return out
}

func (s *seenSet) add(rawURL string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.urls[canonicalOrRawURL(rawURL)] = struct{}{}
}

func (s *seenSet) size() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.urls)
}

func describeProviders(providers []SearchProvider) string {
	names := make([]string, 0, len(providers))
	for _, provider := range providers {
		names = append(names, provider.Name())
	}
	return fmt.Sprintf("[%s]", strings.Join(names, ","))
}

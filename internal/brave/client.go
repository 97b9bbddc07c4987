package brave

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"household/backend/internal/config"
)

const (
	maxErrorBodyBytes = 8 * 1024
	maxQueryWords     = 50
	// The web search endpoint rejects count above 20.
	maxResultCount     = 20
	defaultResultCount = 5
)

var ErrMissingAPIKey = errors.New("brave api key is not configured")

// APIError is a non-2xx answer from Brave. RetryAfter is set on 429s that
// carry a Retry-After header.
type APIError struct {
	StatusCode int
	Body       string
	RetryAfter time.Duration
}

func (e APIError) Error() string {
	if e.RetryAfter > 0 {
		return fmt.Sprintf("brave returned %d (retry after %s): %s", e.StatusCode, e.RetryAfter, e.Body)
	}
	return fmt.Sprintf("brave returned %d: %s", e.StatusCode, e.Body)
}

func (e APIError) RateLimited() bool {
	return e.StatusCode == http.StatusTooManyRequests
}

// Query describes one web search. RecencyDays > 0 restricts results to the
// narrowest freshness window covering that many days.
type Query struct {
	Text        string
	Count       int
	RecencyDays int
}

type SearchResult struct {
	URL         string
	Title       string
	Snippet     string
	PublishedAt string
	Rank        int
}

type Client struct {
	apiKey     string
	baseURL    string
	httpClient *http.Client
}

type webSearchResponse struct {
	Web struct {
		Results []webResult `json:"results"`
	} `json:"web"`
}

type webResult struct {
	URL           string   `json:"url"`
	Title         string   `json:"title"`
	Description   string   `json:"description"`
	ExtraSnippets []string `json:"extra_snippets"`
	PageAge       string   `json:"page_age"`
	Age           string   `json:"age"`
}

func NewClient(cfg config.Config, httpClient *http.Client) Client {
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 15 * time.Second}
	}
	return Client{
		apiKey:     strings.TrimSpace(cfg.BraveAPIKey),
		baseURL:    strings.TrimRight(strings.TrimSpace(cfg.BraveBaseURL), "/"),
		httpClient: httpClient,
	}
}

func (c Client) Configured() bool {
	return c.apiKey != ""
}

func (c Client) Search(ctx context.Context, q Query) ([]SearchResult, error) {
	if !c.Configured() {
		return nil, ErrMissingAPIKey
	}
	text := limitWords(q.Text, maxQueryWords)
	if text == "" {
		return nil, nil
	}
	count := q.Count
	switch {
	case count <= 0:
		count = defaultResultCount
	case count > maxResultCount:
		count = maxResultCount
	}

	endpoint, err := url.Parse(c.baseURL + "/web/search")
	if err != nil {
		return nil, fmt.Errorf("parse brave endpoint: %w", err)
	}
	params := url.Values{}
	params.Set("q", text)
	params.Set("count", strconv.Itoa(count))
	params.Set("result_filter", "web")
	params.Set("spellcheck", "0")
	params.Set("text_decorations", "0")
	params.Set("extra_snippets", "1")
	if freshness := freshnessWindow(q.RecencyDays); freshness != "" {
		params.Set("freshness", freshness)
	}
	endpoint.RawQuery = params.Encode()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint.String(), nil)
	if err != nil {
		return nil, fmt.Errorf("build brave request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	req.Header.Set("X-Subscription-Token", c.apiKey)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("request brave: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode/100 != 2 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBodyBytes))
		return nil, APIError{
			StatusCode: resp.StatusCode,
			Body:       strings.TrimSpace(string(body)),
			RetryAfter: retryAfter(resp.Header.Get("Retry-After")),
		}
	}

	var parsed webSearchResponse
	if err := json.NewDecoder(resp.Body).Decode(&parsed); err != nil {
		return nil, fmt.Errorf("decode brave response: %w", err)
	}
	return collectResults(parsed.Web.Results, count), nil
}

// collectResults drops entries without a URL and repeats that differ only by
// fragment, and ranks the rest from 1.
func collectResults(items []webResult, limit int) []SearchResult {
	out := make([]SearchResult, 0, min(len(items), limit))
	seen := make(map[string]struct{}, len(items))
	for _, item := range items {
		link := strings.TrimSpace(item.URL)
		if link == "" {
			continue
		}
		key, _, _ := strings.Cut(link, "#")
		if _, dup := seen[key]; dup {
			continue
		}
		seen[key] = struct{}{}

		result := SearchResult{
			URL:         link,
			Title:       firstNonEmpty(item.Title, link),
			Snippet:     firstNonEmpty(append([]string{item.Description}, item.ExtraSnippets...)...),
			PublishedAt: publishedDate(item.PageAge, item.Age),
			Rank:        len(out) + 1,
		}
		out = append(out, result)
		if len(out) == limit {
			break
		}
	}
	return out
}

// publishedDate prefers page_age, which Brave sends as a timestamp without a
// zone, and reduces it to a date. Relative ages ("3 days ago") pass through.
func publishedDate(pageAge, age string) string {
	raw := firstNonEmpty(pageAge, age)
	for _, layout := range []string{"2006-01-02T15:04:05", time.RFC3339, "2006-01-02"} {
		if parsed, err := time.Parse(layout, raw); err == nil {
			return parsed.Format("2006-01-02")
		}
	}
	return raw
}

func freshnessWindow(recencyDays int) string {
	switch {
	case recencyDays <= 0:
		return ""
	case recencyDays <= 1:
		return "pd"
	case recencyDays <= 7:
		return "pw"
	case recencyDays <= 31:
		return "pm"
	default:
		return "py"
	}
}

func retryAfter(header string) time.Duration {
	header = strings.TrimSpace(header)
	if header == "" {
		return 0
	}
	if seconds, err := strconv.Atoi(header); err == nil && seconds > 0 {
		return time.Duration(seconds) * time.Second
	}
	if at, err := http.ParseTime(header); err == nil {
		return max(time.Until(at), 0)
	}
	return 0
}

func limitWords(input string, maxWords int) string {
	words := strings.Fields(input)
	if len(words) > maxWords {
		words = words[:maxWords]
	}
	return strings.Join(words, " ")
}

func firstNonEmpty(values ...string) string {
	for _, value := range values {
		if trimmed := strings.TrimSpace(value); trimmed != "" {
			return trimmed
		}
	}
	return ""
}

package brave

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"
	"time"

	"household/backend/internal/config"
)

func newTestClient(t *testing.T, handler http.HandlerFunc) Client {
	t.Helper()
	server := httptest.NewServer(handler)
	t.Cleanup(server.Close)
	return NewClient(config.Config{BraveAPIKey: "brave-key", BraveBaseURL: server.URL + "/"}, server.Client())
}

func TestSearchBuildsRequestAndCollectsResults(t *testing.T) {
	var got url.Values
	var token string
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/web/search" {
			t.Errorf("unexpected path %s", r.URL.Path)
		}
		got = r.URL.Query()
		token = r.Header.Get("X-Subscription-Token")
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{
		  "web": {
		    "results": [
		      {"url":"https://www.rtings.com/chair#top","title":"Best chairs","description":"Tested picks","page_age":"2025-03-01T08:30:00"},
		      {"url":"https://www.rtings.com/chair#reviews","title":"Best chairs again","description":"Duplicate"},
		      {"url":"   ","title":"No url"},
		      {"url":"https://example.com/b","title":"","extra_snippets":["","Seat depth 22 in"],"age":"3 days ago"}
		    ]
		  }
		}`))
	})

	results, err := client.Search(context.Background(), Query{Text: "  oversized   reading chair ", Count: 3})
	if err != nil {
		t.Fatalf("search: %v", err)
	}
	if token != "brave-key" {
		t.Fatalf("expected subscription token header, got %q", token)
	}
	if got.Get("q") != "oversized reading chair" || got.Get("count") != "3" || got.Get("result_filter") != "web" {
		t.Fatalf("unexpected query params %v", got)
	}
	if got.Has("freshness") {
		t.Fatalf("expected no freshness without recency, got %q", got.Get("freshness"))
	}

	if len(results) != 2 {
		t.Fatalf("expected 2 results, got %d: %+v", len(results), results)
	}
	if results[0].PublishedAt != "2025-03-01" || results[0].Rank != 1 {
		t.Fatalf("unexpected first result %+v", results[0])
	}
	second := results[1]
	if second.Title != "https://example.com/b" || second.Snippet != "Seat depth 22 in" || second.PublishedAt != "3 days ago" || second.Rank != 2 {
		t.Fatalf("unexpected fallbacks in second result %+v", second)
	}
}

func TestSearchClampsCountAndQueryLength(t *testing.T) {
	var got url.Values
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		got = r.URL.Query()
		_, _ = w.Write([]byte(`{"web":{"results":[]}}`))
	})

	if _, err := client.Search(context.Background(), Query{Text: strings.Repeat("word ", 80), Count: 50}); err != nil {
		t.Fatalf("search: %v", err)
	}
	if got.Get("count") != "20" {
		t.Fatalf("expected count clamped to 20, got %q", got.Get("count"))
	}
	if words := len(strings.Fields(got.Get("q"))); words != maxQueryWords {
		t.Fatalf("expected %d query words, got %d", maxQueryWords, words)
	}
}

func TestFreshnessWindow(t *testing.T) {
	cases := map[int]string{0: "", -3: "", 1: "pd", 5: "pw", 30: "pm", 31: "pm", 90: "py"}
	for days, want := range cases {
		if got := freshnessWindow(days); got != want {
			t.Fatalf("freshnessWindow(%d) = %q, want %q", days, got, want)
		}
	}
}

func TestSearchSkipsBlankQuery(t *testing.T) {
	calls := 0
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) { calls++ })

	results, err := client.Search(context.Background(), Query{Text: "   "})
	if err != nil || results != nil || calls != 0 {
		t.Fatalf("expected no request for blank query, got results=%v err=%v calls=%d", results, err, calls)
	}
}

func TestSearchRequiresAPIKey(t *testing.T) {
	client := NewClient(config.Config{BraveBaseURL: "https://api.search.brave.com/res/v1"}, nil)
	if client.Configured() {
		t.Fatal("expected client without key to be unconfigured")
	}
	if _, err := client.Search(context.Background(), Query{Text: "chairs"}); !errors.Is(err, ErrMissingAPIKey) {
		t.Fatalf("expected ErrMissingAPIKey, got %v", err)
	}
}

func TestSearchReportsRateLimit(t *testing.T) {
	client := newTestClient(t, func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Retry-After", "2")
		w.WriteHeader(http.StatusTooManyRequests)
		_, _ = w.Write([]byte(`{"type":"ErrorResponse","error":{"code":"RATE_LIMITED"}}`))
	})

	_, err := client.Search(context.Background(), Query{Text: "chairs"})
	var apiErr APIError
	if !errors.As(err, &apiErr) {
		t.Fatalf("expected APIError, got %v", err)
	}
	if !apiErr.RateLimited() || apiErr.RetryAfter != 2*time.Second {
		t.Fatalf("unexpected api error %+v", apiErr)
	}
	if !strings.Contains(err.Error(), "brave returned 429") {
		t.Fatalf("expected status in error, got %v", err)
	}
}

func TestSearchReportsUpstreamError(t *testing.T) {
	client := newTestClient(t, func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
		_, _ = w.Write([]byte(`{"error":"invalid token"}`))
	})

	_, err := client.Search(context.Background(), Query{Text: "chairs"})
	var apiErr APIError
	if !errors.As(err, &apiErr) || apiErr.StatusCode != http.StatusUnauthorized || apiErr.RateLimited() {
		t.Fatalf("expected 401 APIError, got %v", err)
	}
}

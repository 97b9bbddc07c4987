package serper

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"household/backend/internal/config"
)

func TestSearchPostsQueryAndParsesOrganic(t *testing.T) {
	var receivedKey string
	var received searchAPIRequest

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost || r.URL.Path != "/search" {
			t.Errorf("unexpected request %s %s", r.Method, r.URL.Path)
		}
		receivedKey = r.Header.Get("X-API-KEY")
		if err := json.NewDecoder(r.Body).Decode(&received); err != nil {
			t.Errorf("decode request: %v", err)
		}
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"organic":[
		  {"title":"Chair guide","link":"https://example.com/chairs","snippet":"Reading chairs","date":"Jan 2, 2025","position":1},
		  {"title":"Dup","link":"https://example.com/chairs","snippet":"dup","position":2},
		  {"title":"","link":"https://other.org/post","snippet":"Other","position":3}
		]}`))
	}))
	defer server.Close()

	client := NewClient(config.Config{SerperAPIKey: "serper-key", SerperBaseURL: server.URL}, server.Client())
	results, err := client.Search(context.Background(), "reading chair", 5, 7)
	if err != nil {
		t.Fatalf("search: %v", err)
	}
	if receivedKey != "serper-key" {
		t.Fatalf("expected api key header, got %q", receivedKey)
	}
	if received.Q != "reading chair" || received.Num != 5 || received.TBS != "qdr:w" {
		t.Fatalf("unexpected request payload: %+v", received)
	}
	if len(results) != 2 {
		t.Fatalf("expected 2 deduped results, got %d", len(results))
	}
	if results[0].PublishedAt != "Jan 2, 2025" {
		t.Fatalf("unexpected published date: %q", results[0].PublishedAt)
	}
	if results[1].Title != "https://other.org/post" {
		t.Fatalf("expected url fallback title, got %q", results[1].Title)
	}
}

func TestSearchMissingKey(t *testing.T) {
	client := NewClient(config.Config{SerperBaseURL: "https://google.serper.dev"}, nil)
	if _, err := client.Search(context.Background(), "q", 3, 0); !errors.Is(err, ErrMissingAPIKey) {
		t.Fatalf("expected ErrMissingAPIKey, got %v", err)
	}
}

func TestSearchUpstreamError(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusTooManyRequests)
		_, _ = w.Write([]byte("slow down"))
	}))
	defer server.Close()

	client := NewClient(config.Config{SerperAPIKey: "k", SerperBaseURL: server.URL}, server.Client())
	_, err := client.Search(context.Background(), "q", 3, 0)
	var apiErr APIError
	if !errors.As(err, &apiErr) || apiErr.StatusCode != http.StatusTooManyRequests {
		t.Fatalf("expected 429 api error, got %v", err)
	}
}

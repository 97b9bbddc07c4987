package serper

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"

	"household/backend/internal/config"
)

const maxErrorBodyBytes = 8 * 1024

var ErrMissingAPIKey = errors.New("serper api key is not configured")

type APIError struct {
	StatusCode int
	Body       string
}

func (e APIError) Error() string {
	return fmt.Sprintf("serper returned %d: %s", e.StatusCode, e.Body)
}

type SearchResult struct {
	URL         string
	Title       string
	Snippet     string
	PublishedAt string
	Position    int
}

type Client struct {
	apiKey     string
	baseURL    string
	httpClient *http.Client
}

type searchAPIRequest struct {
	Q   string `json:"q"`
	Num int    `json:"num"`
	TBS string `json:"tbs,omitempty"`
}

type searchAPIResponse struct {
	Organic []struct {
		Title    string `json:"title"`
		Link     string `json:"link"`
		Snippet  string `json:"snippet"`
		Date     string `json:"date"`
		Position int    `json:"position"`
	} `json:"organic"`
}

func NewClient(cfg config.Config, httpClient *http.Client) Client {
	if httpClient == nil {
		httpClient = http.DefaultClient
	}
	return Client{
		apiKey:     strings.TrimSpace(cfg.SerperAPIKey),
		baseURL:    strings.TrimRight(strings.TrimSpace(cfg.SerperBaseURL), "/"),
		httpClient: httpClient,
	}
}

func (c Client) Search(ctx context.Context, query string, count, recencyDays int) ([]SearchResult, error) {
	if c.apiKey == "" {
		return nil, ErrMissingAPIKey
	}
	trimmedQuery := strings.TrimSpace(query)
	if trimmedQuery == "" {
		return nil, nil
	}
	if count <= 0 {
		count = 5
	}

	payload, err := json.Marshal(searchAPIRequest{Q: trimmedQuery, Num: count, TBS: timeRangeParam(recencyDays)})
	if err != nil {
		return nil, fmt.Errorf("encode serper request: %w", err)
	}
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/search", bytes.NewReader(payload))
	if err != nil {
		return nil, fmt.Errorf("build serper request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("X-API-KEY", c.apiKey)

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("request serper: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < http.StatusOK || resp.StatusCode >= http.StatusMultipleChoices {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBodyBytes))
		return nil, APIError{StatusCode: resp.StatusCode, Body: strings.TrimSpace(string(body))}
	}

	var parsed searchAPIResponse
	if err := json.NewDecoder(resp.Body).Decode(&parsed); err != nil {
		return nil, fmt.Errorf("decode serper response: %w", err)
	}

	results := make([]SearchResult, 0, len(parsed.Organic))
	seen := make(map[string]struct{}, len(parsed.Organic))
	for _, item := range parsed.Organic {
		link := strings.TrimSpace(item.Link)
		if link == "" {
			continue
		}
		if _, ok := seen[link]; ok {
			continue
		}
		seen[link] = struct{}{}
		title := strings.TrimSpace(item.Title)
		if title == "" {
			title = link
		}
		results = append(results, SearchResult{
			URL:         link,
			Title:       title,
			Snippet:     strings.TrimSpace(item.Snippet),
			PublishedAt: strings.TrimSpace(item.Date),
			Position:    item.Position,
		})
		if len(results) >= count {
			break
		}
	}
	return results, nil
}

func timeRangeParam(recencyDays int) string {
	switch {
	case recencyDays <= 0:
		return ""
	case recencyDays <= 1:
		return "qdr:d"
	case recencyDays <= 7:
		return "qdr:w"
	case recencyDays <= 31:
		return "qdr:m"
	default:
		return "qdr:y"
	}
}

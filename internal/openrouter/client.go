package openrouter

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math"
	"math/big"
	"net/http"
	"strconv"
	"strings"

	"household/backend/internal/config"
)

const maxErrorBodyBytes = 8 * 1024

var ErrMissingAPIKey = errors.New("openrouter api key is not configured")

type APIError struct {
	StatusCode int
	Body       string
}

func (e APIError) Error() string {
	return fmt.Sprintf("openrouter returned %d: %s", e.StatusCode, e.Body)
}

type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type Usage struct {
	PromptTokens     int  `json:"promptTokens"`
	CompletionTokens int  `json:"completionTokens"`
	TotalTokens      int  `json:"totalTokens"`
	CostMicrosUSD    *int `json:"costMicrosUsd,omitempty"`
}

// JSONSchema constrains a completion to a named JSON schema.
type JSONSchema struct {
	Name   string          `json:"name"`
	Strict bool            `json:"strict"`
	Schema json.RawMessage `json:"schema"`
}

type CompletionRequest struct {
	Model       string
	Messages    []Message
	Schema      *JSONSchema
	Temperature *float64
}

type Completion struct {
	Content     string
	Annotations []Annotation
	Usage       Usage
}

type Annotation struct {
	Type        string       `json:"type"`
	URLCitation *URLCitation `json:"url_citation,omitempty"`
}

type URLCitation struct {
	URL        string `json:"url"`
	Title      string `json:"title"`
	Content    string `json:"content"`
	StartIndex int    `json:"start_index"`
	EndIndex   int    `json:"end_index"`
}

type WebSearchRequest struct {
	Model       string
	Query       string
	MaxResults  int
	RecencyDays int
}

type WebResult struct {
	URL     string
	Title   string
	Snippet string
}

type responseFormat struct {
	Type       string      `json:"type"`
	JSONSchema *JSONSchema `json:"json_schema,omitempty"`
}

type plugin struct {
	ID         string `json:"id"`
	MaxResults int    `json:"max_results,omitempty"`
}

type completionAPIRequest struct {
	Model          string          `json:"model"`
	Messages       []Message       `json:"messages"`
	ResponseFormat *responseFormat `json:"response_format,omitempty"`
	Plugins        []plugin        `json:"plugins,omitempty"`
	Temperature    *float64        `json:"temperature,omitempty"`
	Stream         bool            `json:"stream"`
}

type completionAPIUsage struct {
	PromptTokens     int             `json:"prompt_tokens"`
	CompletionTokens int             `json:"completion_tokens"`
	TotalTokens      int             `json:"total_tokens"`
	Cost             json.RawMessage `json:"cost"`
}

type completionAPIResponse struct {
	Choices []struct {
		Message struct {
			Content     string       `json:"content"`
			Annotations []Annotation `json:"annotations"`
		} `json:"message"`
	} `json:"choices"`
	Usage *completionAPIUsage `json:"usage,omitempty"`
	Error *struct {
		Message string `json:"message"`
	} `json:"error,omitempty"`
}

type Client struct {
	apiKey     string
	baseURL    string
	model      string
	httpClient *http.Client
}

func NewClient(cfg config.Config, httpClient *http.Client) Client {
	if httpClient == nil {
		httpClient = http.DefaultClient
	}
	return Client{
		apiKey:     strings.TrimSpace(cfg.OpenRouterAPIKey),
		baseURL:    strings.TrimRight(strings.TrimSpace(cfg.OpenRouterBaseURL), "/"),
		model:      strings.TrimSpace(cfg.OpenRouterResearchModel),
		httpClient: httpClient,
	}
}

// Configured reports whether the client can make requests.
func (c Client) Configured() bool {
	return c.apiKey != "" && c.model != ""
}

func (c Client) Model() string {
	return c.model
}

// Complete runs a non-streaming chat completion. When req.Schema is set the
// upstream is asked for a json_schema-constrained response.
func (c Client) Complete(ctx context.Context, req CompletionRequest) (Completion, error) {
	payload := completionAPIRequest{
		Model:       c.modelOrDefault(req.Model),
		Messages:    req.Messages,
		Temperature: req.Temperature,
	}
	if req.Schema != nil {
		payload.ResponseFormat = &responseFormat{Type: "json_schema", JSONSchema: req.Schema}
	}
	return c.complete(ctx, payload)
}

// WebSearch asks the model to run a single web search through the "web"
// plugin and returns the url citations it attached to its answer.
func (c Client) WebSearch(ctx context.Context, req WebSearchRequest) ([]WebResult, error) {
	query := strings.TrimSpace(req.Query)
	if query == "" {
		return nil, nil
	}
	maxResults := req.MaxResults
	if maxResults <= 0 {
		maxResults = 5
	}

	prompt := "Search the web for: " + query + "\nList the most relevant sources with one sentence each."
	if req.RecencyDays > 0 {
		prompt += fmt.Sprintf("\nOnly use sources published in the last %d days.", req.RecencyDays)
	}

	completion, err := c.complete(ctx, completionAPIRequest{
		Model:    c.modelOrDefault(req.Model),
		Messages: []Message{{Role: "user", Content: prompt}},
		Plugins:  []plugin{{ID: "web", MaxResults: maxResults}},
	})
	if err != nil {
		return nil, err
	}

	results := make([]WebResult, 0, len(completion.Annotations))
	seen := make(map[string]struct{}, len(completion.Annotations))
	for _, annotation := range completion.Annotations {
		if annotation.Type != "url_citation" || annotation.URLCitation == nil {
			continue
		}
		rawURL := strings.TrimSpace(annotation.URLCitation.URL)
		if rawURL == "" {
			continue
		}
		if _, ok := seen[rawURL]; ok {
			continue
		}
		seen[rawURL] = struct{}{}
		title := strings.TrimSpace(annotation.URLCitation.Title)
		if title == "" {
			title = rawURL
		}
		results = append(results, WebResult{
			URL:     rawURL,
			Title:   title,
			Snippet: strings.TrimSpace(annotation.URLCitation.Content),
		})
		if len(results) >= maxResults {
			break
		}
	}
	return results, nil
}

func (c Client) modelOrDefault(model string) string {
	if trimmed := strings.TrimSpace(model); trimmed != "" {
		return trimmed
	}
	return c.model
}

func (c Client) complete(ctx context.Context, req completionAPIRequest) (Completion, error) {
	if c.apiKey == "" {
		return Completion{}, ErrMissingAPIKey
	}
	if req.Model == "" {
		return Completion{}, errors.New("model is required")
	}
	if len(req.Messages) == 0 {
		return Completion{}, errors.New("messages are required")
	}

	payload, err := json.Marshal(req)
	if err != nil {
		return Completion{}, fmt.Errorf("marshal openrouter request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/chat/completions", bytes.NewReader(payload))
	if err != nil {
		return Completion{}, fmt.Errorf("build openrouter request: %w", err)
	}
	httpReq.Header.Set("Authorization", "Bearer "+c.apiKey)
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Accept", "application/json")

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return Completion{}, fmt.Errorf("request openrouter: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < http.StatusOK || resp.StatusCode >= http.StatusMultipleChoices {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBodyBytes))
		return Completion{}, APIError{StatusCode: resp.StatusCode, Body: strings.TrimSpace(string(body))}
	}

	var parsed completionAPIResponse
	if err := json.NewDecoder(resp.Body).Decode(&parsed); err != nil {
		return Completion{}, fmt.Errorf("decode openrouter response: %w", err)
	}
	if parsed.Error != nil && strings.TrimSpace(parsed.Error.Message) != "" {
		return Completion{}, errors.New(strings.TrimSpace(parsed.Error.Message))
	}
	if len(parsed.Choices) == 0 {
		return Completion{}, errors.New("openrouter response had no choices")
	}

	out := Completion{
		Content:     strings.TrimSpace(parsed.Choices[0].Message.Content),
		Annotations: parsed.Choices[0].Message.Annotations,
	}
	if parsed.Usage != nil {
		out.Usage = Usage{
			PromptTokens:     parsed.Usage.PromptTokens,
			CompletionTokens: parsed.Usage.CompletionTokens,
			TotalTokens:      parsed.Usage.TotalTokens,
			CostMicrosUSD:    parseOptionalPriceMicros(parsed.Usage.Cost),
		}
	}
	return out, nil
}

func parseOptionalPriceMicros(raw json.RawMessage) *int {
	value := strings.TrimSpace(string(raw))
	if value == "" || value == "null" {
		return nil
	}
	micros := parsePriceMicros(raw)
	return &micros
}

func parsePriceMicros(raw json.RawMessage) int {
	var asString string
	if err := json.Unmarshal(raw, &asString); err == nil {
		return priceStringToMicros(asString)
	}

	var asNumber float64
	if err := json.Unmarshal(raw, &asNumber); err == nil {
		if asNumber < 0 {
			return 0
		}
		return int(math.Round(asNumber * 1_000_000))
	}

	return 0
}

func priceStringToMicros(raw string) int {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return 0
	}

	if floatValue, err := strconv.ParseFloat(trimmed, 64); err == nil {
		if floatValue < 0 {
			return 0
		}
		return int(math.Round(floatValue * 1_000_000))
	}

	rat := new(big.Rat)
	if _, ok := rat.SetString(trimmed); !ok || rat.Sign() < 0 {
		return 0
	}
	rat.Mul(rat, big.NewRat(1_000_000, 1))
	value, _ := rat.Float64()
	return int(math.Round(value))
}

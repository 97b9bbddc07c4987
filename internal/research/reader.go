package research

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"mime"
	"net"
	"net/http"
	"strings"
	"time"
)

const (
	readerUserAgent     = "household-research-bot/1.0"
	readerAccept        = "text/html,application/xhtml+xml,text/plain,text/markdown,text/csv,application/json,application/pdf;q=0.9,*/*;q=0.2"
	readerSnippetRunes  = 900
	defaultMaxRedirects = 3
	defaultMaxTextRunes = 16_000
	defaultMaxBodyBytes = int64(1_500_000)
)

// Fetch statuses recorded on ReadResult.
const (
	fetchOK                 = "ok"
	fetchBlocked            = "blocked"
	fetchFailed             = "fetch_failed"
	fetchTimeout            = "timeout"
	fetchEmpty              = "empty_content"
	fetchUnsupportedContent = "unsupported_content_type"
)

var errEmptyContent = errors.New("extracted content is empty")

type ReaderConfig struct {
	RequestTimeout time.Duration
	MaxBytes       int64
	MaxRedirects   int
	MaxTextRunes   int
}

func (c ReaderConfig) withDefaults() ReaderConfig {
	if c.RequestTimeout <= 0 {
		c.RequestTimeout = defaultSourceFetchTimeout
	}
	if c.MaxBytes <= 0 {
		c.MaxBytes = defaultMaxBodyBytes
	}
	if c.MaxRedirects <= 0 {
		c.MaxRedirects = defaultMaxRedirects
	}
	if c.MaxTextRunes <= 0 {
		c.MaxTextRunes = defaultMaxTextRunes
	}
	return c
}

// HTTPReader fetches public web documents and extracts their text.
type HTTPReader struct {
	cfg    ReaderConfig
	client *http.Client
}

// NewHTTPReader builds a reader. Without a client it dials through the
// public-address guard; a supplied client keeps its transport but still gets
// the redirect policy.
func NewHTTPReader(cfg ReaderConfig, client *http.Client) *HTTPReader {
	cfg = cfg.withDefaults()
	if client == nil {
		transport := http.DefaultTransport.(*http.Transport).Clone()
		transport.DialContext = guardedDialer(&net.Dialer{Timeout: cfg.RequestTimeout})
		client = &http.Client{Transport: transport}
	}
	client.CheckRedirect = func(req *http.Request, via []*http.Request) error {
		if len(via) >= cfg.MaxRedirects {
			return fmt.Errorf("stopped after %d redirects", len(via))
		}
		_, err := checkFetchURL(req.URL.String())
		return err
	}
	return &HTTPReader{cfg: cfg, client: client}
}

func (r *HTTPReader) Read(ctx context.Context, rawURL string) (ReadResult, error) {
	target, err := checkFetchURL(rawURL)
	if err != nil {
		return ReadResult{URL: rawURL, FetchStatus: fetchBlocked}, err
	}
	result := ReadResult{URL: target.String(), FinalURL: target.String()}

	ctx, cancel := context.WithTimeout(ctx, r.cfg.RequestTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, target.String(), nil)
	if err != nil {
		result.FetchStatus = fetchFailed
		return result, err
	}
	req.Header.Set("User-Agent", readerUserAgent)
	req.Header.Set("Accept", readerAccept)

	resp, err := r.client.Do(req)
	if err != nil {
		result.FetchStatus = fetchFailed
		return result, err
	}
	defer resp.Body.Close()

	result.FetchedAt = time.Now().UTC()
	result.FetchStatus = fmt.Sprintf("http_%d", resp.StatusCode)
	result.ContentType = mediaTypeOf(resp.Header.Get("Content-Type"))
	page := target
	if resp.Request != nil && resp.Request.URL != nil {
		page = resp.Request.URL
		result.FinalURL = page.String()
	}
	if resp.StatusCode < 200 || resp.StatusCode > 399 {
		return result, fmt.Errorf("upstream returned status %d", resp.StatusCode)
	}

	body, truncated, err := readLimited(resp.Body, r.cfg.MaxBytes)
	if err != nil {
		result.FetchStatus = fetchFailed
		return result, err
	}
	result.Truncated = truncated

	doc, err := extractDocument(result.ContentType, body, page)
	if err != nil {
		if errors.Is(err, errUnsupportedContentType) {
			result.FetchStatus = fetchUnsupportedContent
		}
		return result, err
	}
	result.Title = doc.title
	result.Text = trimToRunes(doc.text, r.cfg.MaxTextRunes)
	if result.Text == "" {
		result.FetchStatus = fetchEmpty
		return result, errEmptyContent
	}
	result.Snippet = trimToRunes(result.Text, readerSnippetRunes)
	result.FetchStatus = fetchOK
	return result, nil
}

func mediaTypeOf(header string) string {
	header = strings.TrimSpace(header)
	if header == "" {
		return "application/octet-stream"
	}
	if mediaType, _, err := mime.ParseMediaType(header); err == nil {
		return mediaType
	}
	return strings.ToLower(header)
}

// readLimited reads at most limit bytes and reports whether more remained.
func readLimited(r io.Reader, limit int64) ([]byte, bool, error) {
	var buf bytes.Buffer
	n, err := buf.ReadFrom(io.LimitReader(r, limit+1))
	if err != nil {
		return nil, false, err
	}
	if n > limit {
		return buf.Bytes()[:limit], true, nil
	}
	return buf.Bytes(), false, nil
}

// classifyReadFailure names a read failure for logs and events.
func classifyReadFailure(err error, result ReadResult) string {
	var blocked *blockedURLError
	switch {
	case err == nil:
		return ""
	case errors.As(err, &blocked):
		return "blocked_url"
	case errors.Is(err, context.DeadlineExceeded):
		return fetchTimeout
	case errors.Is(err, errUnsupportedContentType):
		return fetchUnsupportedContent
	case errors.Is(err, errEmptyContent):
		return fetchEmpty
	case result.FetchStatus != "":
		return result.FetchStatus
	default:
		return fetchFailed
	}
}

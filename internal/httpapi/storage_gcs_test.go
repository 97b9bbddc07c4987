package httpapi

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"

	"google.golang.org/api/option"
)

type gcsRecorder struct {
	mu       sync.Mutex
	requests []string
	queries  []string
	bodies   []string
	// uploadStatus overrides the status returned for object uploads.
	uploadStatus int
}

func (g *gcsRecorder) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	body, _ := io.ReadAll(r.Body)
	g.mu.Lock()
	g.requests = append(g.requests, r.Method+" "+r.URL.Path)
	g.queries = append(g.queries, r.URL.RawQuery)
	g.bodies = append(g.bodies, string(body))
	status := g.uploadStatus
	g.mu.Unlock()
	w.Header().Set("Content-Type", "application/json")
	if r.Method == http.MethodPost && status != 0 {
		w.WriteHeader(status)
		_, _ = w.Write([]byte(`{"error":{"code":412,"message":"conditionNotMet"}}`))
		return
	}
	_, _ = w.Write([]byte(`{"name":"household-reports"}`))
}

func TestGCSReportArchiveWritesMarkdown(t *testing.T) {
	recorder := &gcsRecorder{}
	server := httptest.NewServer(recorder)
	defer server.Close()

	ctx := context.Background()
	archive, err := NewGCSReportArchive(ctx, " household-reports ",
		option.WithEndpoint(server.URL+"/storage/v1/"),
		option.WithHTTPClient(server.Client()),
		option.WithoutAuthentication(),
	)
	if err != nil {
		t.Fatalf("new archive: %v", err)
	}

	if err := archive.ArchiveReport(ctx, "run-1", "# Reading chairs\n\nShortlist."); err != nil {
		t.Fatalf("archive report: %v", err)
	}

	if len(recorder.requests) != 2 {
		t.Fatalf("expected bucket check and upload, got %v", recorder.requests)
	}
	if recorder.requests[0] != "GET /storage/v1/b/household-reports" {
		t.Fatalf("unexpected bucket check: %s", recorder.requests[0])
	}
	if !strings.HasSuffix(recorder.requests[1], "/b/household-reports/o") || !strings.HasPrefix(recorder.requests[1], "POST ") {
		t.Fatalf("unexpected upload request: %s", recorder.requests[1])
	}
	if !strings.Contains(recorder.queries[1], "ifGenerationMatch=0") {
		t.Fatalf("expected write-once precondition, got %s", recorder.queries[1])
	}
	upload := recorder.bodies[1]
	if !strings.Contains(upload, "research-reports/run-1.md") || !strings.Contains(upload, "# Reading chairs") {
		t.Fatalf("upload body missing object name or markdown: %s", upload)
	}
}

func TestGCSReportArchiveTreatsExistingObjectAsArchived(t *testing.T) {
	recorder := &gcsRecorder{uploadStatus: http.StatusPreconditionFailed}
	server := httptest.NewServer(recorder)
	defer server.Close()

	ctx := context.Background()
	archive, err := NewGCSReportArchive(ctx, "household-reports",
		option.WithEndpoint(server.URL+"/storage/v1/"),
		option.WithHTTPClient(server.Client()),
		option.WithoutAuthentication(),
	)
	if err != nil {
		t.Fatalf("new archive: %v", err)
	}
	if err := archive.ArchiveReport(ctx, "run-1", "# Report"); err != nil {
		t.Fatalf("expected existing object to count as archived, got %v", err)
	}
}

func TestReportObjectNameRejectsPathSeparators(t *testing.T) {
	if _, err := reportObjectName("../other/run"); err == nil {
		t.Fatalf("expected error for nested run id")
	}
	name, err := reportObjectName(" /run-7/ ")
	if err != nil || name != "research-reports/run-7.md" {
		t.Fatalf("unexpected object name %q (%v)", name, err)
	}
}

func TestGCSReportArchiveRequiresBucket(t *testing.T) {
	if _, err := NewGCSReportArchive(context.Background(), "  "); err == nil {
		t.Fatalf("expected error for empty bucket")
	}
}

package httpapi

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"google.golang.org/api/googleapi"
	"google.golang.org/api/option"
	gcsapi "google.golang.org/api/storage/v1"
)

const reportObjectPrefix = "research-reports/"

// GCSReportArchive keeps a write-once copy of each finished research report.
// The orchestrator may archive the same run again after a restart; the second
// write is rejected by the generation precondition and treated as done.
type GCSReportArchive struct {
	bucket  string
	objects *gcsapi.ObjectsService
}

func NewGCSReportArchive(ctx context.Context, bucket string, opts ...option.ClientOption) (*GCSReportArchive, error) {
	bucket = strings.TrimSpace(bucket)
	if bucket == "" {
		return nil, errors.New("gcs bucket is required")
	}
	service, err := gcsapi.NewService(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("create gcs service: %w", err)
	}
	if _, err := service.Buckets.Get(bucket).Fields("name").Context(ctx).Do(); err != nil {
		return nil, fmt.Errorf("check gcs bucket %q: %w", bucket, err)
	}
	return &GCSReportArchive{bucket: bucket, objects: service.Objects}, nil
}

func reportObjectName(runID string) (string, error) {
	id := strings.Trim(strings.TrimSpace(runID), "/")
	if id == "" || strings.ContainsAny(id, "/\\") {
		return "", fmt.Errorf("invalid run id %q", runID)
	}
	return reportObjectPrefix + id + ".md", nil
}

func (a *GCSReportArchive) ArchiveReport(ctx context.Context, runID, markdown string) error {
	name, err := reportObjectName(runID)
	if err != nil {
		return err
	}
	sum := sha256.Sum256([]byte(markdown))
	object := &gcsapi.Object{
		Name:        name,
		ContentType: "text/markdown; charset=utf-8",
		Metadata: map[string]string{
			"research_run_id": strings.TrimSuffix(strings.TrimPrefix(name, reportObjectPrefix), ".md"),
			"sha256":          hex.EncodeToString(sum[:]),
		},
	}
	_, err = a.objects.Insert(a.bucket, object).
		IfGenerationMatch(0).
		Media(strings.NewReader(markdown), googleapi.ContentType(object.ContentType)).
		Context(ctx).
		Do()
	var apiErr *googleapi.Error
	if errors.As(err, &apiErr) && apiErr.Code == http.StatusPreconditionFailed {
		return nil
	}
	if err != nil {
		return fmt.Errorf("write gcs object %q: %w", name, err)
	}
	return nil
}

// Package archive keeps a write-once copy of every successful run's final payload in Cloud
// Storage, under <user>/<company-slug>/<run_id>.json.
package archive

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"

	"cloud.google.com/go/storage"
	"go.uber.org/zap"
	"google.golang.org/api/googleapi"
	"google.golang.org/api/option"

	"github.com/shpitdev/company-outreach/internal/pipeline"
)

// Bucket opens writers for new objects. Writers must refuse to overwrite an existing object.
type Bucket interface {
	NewWriter(ctx context.Context, object, contentType string) io.WriteCloser
}

type gcsBucket struct {
	h *storage.BucketHandle
}

func (b gcsBucket) NewWriter(ctx context.Context, object, contentType string) io.WriteCloser {
	w := b.h.Object(object).If(storage.Conditions{DoesNotExist: true}).NewWriter(ctx)
	w.ContentType = contentType
	return w
}

type Archive struct {
	bucket Bucket
	name   string
	logger *zap.Logger
	client *storage.Client
}

var _ pipeline.Archiver = (*Archive)(nil)

// New opens a Cloud Storage client for bucket. Close releases it.
func New(ctx context.Context, bucket string, logger *zap.Logger, opts ...option.ClientOption) (*Archive, error) {
	bucket = strings.TrimSpace(bucket)
	if bucket == "" {
		return nil, errors.New("archive: bucket is required")
	}
	client, err := storage.NewClient(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("archive: storage client: %w", err)
	}
	a := NewWithBucket(gcsBucket{h: client.Bucket(bucket)}, bucket, logger)
	a.client = client
	return a, nil
}

// NewWithBucket builds an archive over any Bucket implementation.
func NewWithBucket(b Bucket, name string, logger *zap.Logger) *Archive {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Archive{bucket: b, name: name, logger: logger}
}

func (a *Archive) Close() error {
	if a == nil || a.client == nil {
		return nil
	}
	return a.client.Close()
}

// Archive writes p once. An object that already exists is left alone and is not an error.
func (a *Archive) Archive(ctx context.Context, userID string, p pipeline.FinalPayload) error {
	object := ObjectPath(userID, p.Company, p.RunID)
	body, err := json.MarshalIndent(p, "", "  ")
	if err != nil {
		return fmt.Errorf("archive: encode %s: %w", object, err)
	}

	w := a.bucket.NewWriter(ctx, object, "application/json")
	if _, err := io.Copy(w, bytes.NewReader(body)); err != nil {
		_ = w.Close()
		if alreadyExists(err) {
			a.logger.Info("archive object exists; skipping", zap.String("object", object))
			return nil
		}
		return fmt.Errorf("archive: write gs://%s/%s: %w", a.name, object, err)
	}
	if err := w.Close(); err != nil {
		if alreadyExists(err) {
			a.logger.Info("archive object exists; skipping", zap.String("object", object))
			return nil
		}
		return fmt.Errorf("archive: finalize gs://%s/%s: %w", a.name, object, err)
	}
	a.logger.Debug("archived", zap.String("object", object), zap.Int("bytes", len(body)))
	return nil
}

func alreadyExists(err error) bool {
	var gerr *googleapi.Error
	return errors.As(err, &gerr) && gerr.Code == http.StatusPreconditionFailed
}

// ObjectPath is the object name for one run.
func ObjectPath(userID, company, runID string) string {
	return slug(userID) + "/" + slug(company) + "/" + slug(runID) + ".json"
}

func slug(s string) string {
	var b strings.Builder
	dash := false
	for _, r := range strings.ToLower(strings.TrimSpace(s)) {
		switch {
		case r >= 'a' && r <= 'z', r >= '0' && r <= '9':
			b.WriteRune(r)
			dash = false
		case !dash && b.Len() > 0:
			b.WriteByte('-')
			dash = true
		}
	}
	out := strings.TrimSuffix(b.String(), "-")
	if out == "" {
		return "unknown"
	}
	return out
}

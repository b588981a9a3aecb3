package archive

import (
	"context"
	"fmt"
	"io"
	"strconv"
	"time"

	"cloud.google.com/go/storage"
	"github.com/bytedance/sonic"
)

// GCSArchiver writes dead-lettered messages as JSON objects to a GCS bucket.
// It assumes Application Default Credentials are configured.
type GCSArchiver struct {
	client *storage.Client
	bucket string
}

// NewGCSArchiver creates a GCSArchiver on a caller-owned client.
func NewGCSArchiver(client *storage.Client, bucket string) *GCSArchiver {
	return &GCSArchiver{
		client: client,
		bucket: bucket,
	}
}

// Archive implements Archiver.
func (a *GCSArchiver) Archive(ctx context.Context, entry Entry) (string, error) {
	if entry.ArchivedAt.IsZero() {
		entry.ArchivedAt = time.Now().UTC()
	}

	data, err := sonic.Marshal(entry)
	if err != nil {
		return "", fmt.Errorf("Archive: encoding entry: %w", err)
	}

	objectName := ObjectName(entry)

	ctx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()

	w := a.client.Bucket(a.bucket).Object(objectName).NewWriter(ctx)
	w.ContentType = "application/json"
	w.Metadata = map[string]string{
		"channel":    entry.Channel,
		"trace_id":   entry.TraceID,
		"message_id": entry.MessageID,
		"attempt":    strconv.Itoa(entry.Attempt),
	}

	if _, err := w.Write(data); err != nil {
		_ = w.Close()
		return "", fmt.Errorf("Archive: writing %s: %w", objectName, err)
	}

	// Close to finalize the upload
	if err := w.Close(); err != nil {
		return "", fmt.Errorf("Archive: finalize upload %s: %w", objectName, err)
	}

	return fmt.Sprintf("gs://%s/%s", a.bucket, objectName), nil
}

// Fetch reads back an archived entry from its gs:// URI.
func Fetch(ctx context.Context, client *storage.Client, uri string) (*Entry, error) {
	bucket, object, err := ParseURI(uri)
	if err != nil {
		return nil, fmt.Errorf("Fetch: %w", err)
	}

	rc, err := client.Bucket(bucket).Object(object).NewReader(ctx)
	if err != nil {
		return nil, fmt.Errorf("Fetch: reading object %s/%s: %w", bucket, object, err)
	}
	defer rc.Close()

	data, err := io.ReadAll(rc)
	if err != nil {
		return nil, fmt.Errorf("Fetch: reading bytes: %w", err)
	}

	var entry Entry
	if err := sonic.Unmarshal(data, &entry); err != nil {
		return nil, fmt.Errorf("Fetch: decoding %s: %w", uri, err)
	}
	return &entry, nil
}

var _ Archiver = (*GCSArchiver)(nil)

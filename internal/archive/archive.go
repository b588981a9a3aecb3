// Package archive keeps a copy of commands the worker gave up on, so they can be
// inspected and replayed by hand.
package archive

import (
	"context"
	"fmt"
	"path"
	"strings"
	"time"

	"github.com/rs/zerolog"
)

// Entry is a dead-lettered message together with the reason it was dropped.
type Entry struct {
	MessageID  string    `json:"messageId"`
	Channel    string    `json:"channel"`
	TraceID    string    `json:"traceId,omitempty"`
	Attempt    int       `json:"attempt"`
	Reason     string    `json:"reason"`
	Body       []byte    `json:"body"`
	ArchivedAt time.Time `json:"archivedAt"`
}

// Archiver stores dead-lettered messages.
type Archiver interface {
	// Archive stores entry and returns a URI identifying the stored copy.
	Archive(ctx context.Context, entry Entry) (string, error)
}

// ObjectName returns the object path for entry:
// deadletter/<channel>/<yyyy>/<mm>/<dd>/<trace or message id>-<attempt>.json
func ObjectName(entry Entry) string {
	id := entry.TraceID
	if id == "" {
		id = entry.MessageID
	}
	if id == "" {
		id = "unknown"
	}
	return path.Join(
		"deadletter",
		entry.Channel,
		entry.ArchivedAt.UTC().Format("2006/01/02"),
		fmt.Sprintf("%s-%d.json", sanitize(id), entry.Attempt),
	)
}

func sanitize(s string) string {
	return strings.Map(func(r rune) rune {
		if r == '/' || r == '\\' || r < 0x20 {
			return '_'
		}
		return r
	}, s)
}

// ParseURI splits a gs://bucket/object URI.
func ParseURI(uri string) (bucket, object string, err error) {
	if !strings.HasPrefix(uri, "gs://") {
		return "", "", fmt.Errorf("invalid GCS URI: %s", uri)
	}

	trimmed := strings.TrimPrefix(uri, "gs://")
	parts := strings.SplitN(trimmed, "/", 2)
	if len(parts) != 2 || parts[0] == "" || parts[1] == "" {
		return "", "", fmt.Errorf("invalid GCS URI (no object path): %s", uri)
	}
	return parts[0], parts[1], nil
}

// LogArchiver only logs dead-lettered messages. It is used when no bucket is configured.
type LogArchiver struct {
	log zerolog.Logger
}

// NewLogArchiver creates a LogArchiver.
func NewLogArchiver(log zerolog.Logger) *LogArchiver {
	return &LogArchiver{log: log}
}

// Archive implements Archiver.
func (a *LogArchiver) Archive(ctx context.Context, entry Entry) (string, error) {
	a.log.Warn().
		Str("message_id", entry.MessageID).
		Str("channel", entry.Channel).
		Str("trace_id", entry.TraceID).
		Int("attempt", entry.Attempt).
		Str("reason", entry.Reason).
		Bytes("body", entry.Body).
		Msg("Message dead-lettered")
	return "log://" + ObjectName(entry), nil
}

var _ Archiver = (*LogArchiver)(nil)

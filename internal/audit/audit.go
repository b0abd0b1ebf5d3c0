// Package audit implements the Audit Log: an append-only, line-delimited
// JSON journal of low-confidence routing decisions, with each record's
// write serialised under a mutex, and an optional SQL mirror via
// internal/db for ad-hoc querying.
package audit

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/kandev/router/internal/common/logger"
	"github.com/kandev/router/internal/events"
	"github.com/kandev/router/internal/events/bus"
)

// Record is one audit-log line (spec §4.8). ID is only populated for
// records read back from the SQL mirror; the append-only journal itself
// has no notion of row identity.
type Record struct {
	ID              int64     `json:"id,omitempty"`
	Timestamp       time.Time `json:"timestamp"`
	EventType       string    `json:"event_type"`
	UserID          string    `json:"user_id"`
	MessagePreview  string    `json:"message_preview"`
	Decision        string    `json:"decision"`
	Confidence      float64   `json:"confidence"`
	Reasoning       string    `json:"reasoning"`
	MatchedRole     string    `json:"matched_role"`
	AuditRequired   bool      `json:"audit_required"`
	Reviewed        bool      `json:"reviewed"`
}

const previewMaxChars = 100

// TruncatePreview clips a message to the audit preview length limit.
func TruncatePreview(s string) string {
	r := []rune(s)
	if len(r) <= previewMaxChars {
		return s
	}
	return string(r[:previewMaxChars])
}

// lowConfidenceAlertThreshold triggers an operational alert in addition to
// the journal write (spec §4.8).
const lowConfidenceAlertThreshold = 0.5

// Mirror is the optional SQL sink a Logger may also write to, kept
// separate from the append-only file so the file remains the source of
// truth even if the SQL mirror is unavailable.
type Mirror interface {
	InsertAuditRecord(ctx context.Context, r Record) error
}

// Logger serialises writes under one mutex so concurrent appends never
// interleave bytes within a record, satisfying §5's atomicity requirement
// without relying on the OS's atomic-write size.
type Logger struct {
	file   *os.File
	writer *bufio.Writer
	mu     sync.Mutex

	mirror   Mirror
	eventBus bus.EventBus
	log      *logger.Logger
}

// New opens (creating if necessary) the append-only journal at path.
func New(path string, mirror Mirror, eventBus bus.EventBus, log *logger.Logger) (*Logger, error) {
	f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0644)
	if err != nil {
		return nil, fmt.Errorf("audit: open journal: %w", err)
	}
	return &Logger{file: f, writer: bufio.NewWriter(f), mirror: mirror, eventBus: eventBus, log: log}, nil
}

// Append writes one record, flushing immediately so every completed call
// observes a durable, complete JSON line (spec §4.8: "writes are flushed
// after each record").
func (l *Logger) Append(ctx context.Context, r Record) error {
	if r.Timestamp.IsZero() {
		r.Timestamp = time.Now().UTC()
	}
	r.MessagePreview = TruncatePreview(r.MessagePreview)

	payload, err := json.Marshal(r)
	if err != nil {
		return fmt.Errorf("audit: marshal record: %w", err)
	}

	l.mu.Lock()
	_, writeErr := l.writer.Write(append(payload, '\n'))
	if writeErr == nil {
		writeErr = l.writer.Flush()
	}
	l.mu.Unlock()
	if writeErr != nil {
		return fmt.Errorf("audit: write record: %w", writeErr)
	}

	if l.mirror != nil {
		if err := l.mirror.InsertAuditRecord(ctx, r); err != nil {
			l.log.Sugar().Warnw("audit: sql mirror insert failed", "error", err)
		}
	}

	if r.Confidence < lowConfidenceAlertThreshold {
		l.emitAlert(ctx, r)
	}
	return nil
}

func (l *Logger) emitAlert(ctx context.Context, r Record) {
	if l.eventBus == nil {
		return
	}
	evt := bus.NewEvent("routing.low_confidence", "session-router", map[string]interface{}{
		"user_id":    r.UserID,
		"decision":   r.Decision,
		"confidence": r.Confidence,
	})
	if err := l.eventBus.Publish(ctx, events.RoutingLowConfidence, evt); err != nil {
		l.log.Sugar().Warnw("audit: failed to publish low-confidence alert", "error", err)
	}
}

func (l *Logger) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if err := l.writer.Flush(); err != nil {
		return err
	}
	return l.file.Close()
}

package historian

// FileSink is the default production Sink: it appends each historian
// table as newline-delimited JSON under a base directory, one file per
// table.
//
// A real deployment points the historian at a time-series database with
// the same table shapes; FileSink's job is to be a faithful,
// inspectable stand-in rather than a database driver.

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"scadamaster/internal/model"
)

// Table names double as the five file names FileSink appends to.
const (
	tableTelemetry     = "telemetry"
	tableGridMetrics   = "grid_metrics"
	tableAlarms        = "alarms"
	tableAudit         = "audit_log"
	tableSecurityEvent = "security_events"
)

// FileSink implements Sink by appending JSON-lines rows under dir, one
// file per table.
type FileSink struct {
	dir string
	mu  sync.Mutex
}

// NewFileSink ensures dir exists and returns a Sink rooted there.
func NewFileSink(dir string) (*FileSink, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("historian: create sink directory: %w", err)
	}
	return &FileSink{dir: dir}, nil
}

func appendRows[T any](s *FileSink, table string, rows []T) error {
	if len(rows) == 0 {
		return nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	f, err := os.OpenFile(filepath.Join(s.dir, table+".jsonl"), os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return fmt.Errorf("historian: open %s: %w", table, err)
	}
	defer f.Close()
	w := bufio.NewWriter(f)
	enc := json.NewEncoder(w)
	for _, row := range rows {
		if err := enc.Encode(row); err != nil {
			return fmt.Errorf("historian: encode %s row: %w", table, err)
		}
	}
	return w.Flush()
}

// WriteTelemetry appends one row per sample to telemetry.jsonl.
func (s *FileSink) WriteTelemetry(_ context.Context, rows []model.TelemetrySample) error {
	return appendRows(s, tableTelemetry, rows)
}

// WriteGridMetrics appends one row per grid snapshot to grid_metrics.jsonl.
func (s *FileSink) WriteGridMetrics(_ context.Context, rows []model.GridSnapshot) error {
	return appendRows(s, tableGridMetrics, rows)
}

// WriteAlarms appends one row per alarm transition to alarms.jsonl.
func (s *FileSink) WriteAlarms(_ context.Context, rows []model.Alarm) error {
	return appendRows(s, tableAlarms, rows)
}

// WriteAudit appends one row per audit entry to audit_log.jsonl.
func (s *FileSink) WriteAudit(_ context.Context, rows []model.AuditEntry) error {
	return appendRows(s, tableAudit, rows)
}

// WriteSecurityEvents appends one row per security event to security_events.jsonl.
func (s *FileSink) WriteSecurityEvents(_ context.Context, rows []model.SecurityEvent) error {
	return appendRows(s, tableSecurityEvent, rows)
}

// Package audit is the append-only audit trail for command lifecycle
// events: sent, received, started, completed, failed, retried, moved-to-TSQ,
// operator-actioned. Rows are never updated or deleted by application code.
package audit

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"
)

// Entry is one audit trail row.
type Entry struct {
	Domain        string
	CommandID     string
	CorrelationID string
	EventType     string
	Detail        json.RawMessage
	RecordedAt    time.Time
}

// Logger appends to commandbus.audit_log.
type Logger struct {
	db *sql.DB
}

// New builds a Logger over an already-open pool.
func New(db *sql.DB) *Logger {
	return &Logger{db: db}
}

// Log appends a single audit entry, optionally inside the caller's
// transaction (pass nil to run standalone), so a status change and its
// audit row commit atomically.
func (l *Logger) Log(ctx context.Context, tx *sql.Tx, e Entry) error {
	query := `
		INSERT INTO commandbus.audit_log
			(domain, command_id, correlation_id, event_type, detail, recorded_at)
		VALUES ($1, $2, $3, $4, $5, now())
	`
	detail := e.Detail
	if len(detail) == 0 {
		detail = json.RawMessage(`{}`)
	}
	var err error
	if tx != nil {
		_, err = tx.ExecContext(ctx, query, e.Domain, e.CommandID, e.CorrelationID, e.EventType, []byte(detail))
	} else {
		_, err = l.db.ExecContext(ctx, query, e.Domain, e.CommandID, e.CorrelationID, e.EventType, []byte(detail))
	}
	if err != nil {
		return fmt.Errorf("audit: log %s/%s event=%s: %w", e.Domain, e.CommandID, e.EventType, err)
	}
	return nil
}

// LogBatch appends entries one at a time through Log, stopping at the first
// error. With a non-nil tx they commit or roll back together with it; with a
// nil tx each entry is written on its own, so entries before a failure stay.
func (l *Logger) LogBatch(ctx context.Context, tx *sql.Tx, entries []Entry) error {
	for i, e := range entries {
		if err := l.Log(ctx, tx, e); err != nil {
			return fmt.Errorf("audit: log_batch item %d: %w", i, err)
		}
	}
	return nil
}

// Trail returns a command's full audit history, oldest first.
func (l *Logger) Trail(ctx context.Context, domain, commandID string) ([]Entry, error) {
	rows, err := l.db.QueryContext(ctx, `
		SELECT domain, command_id, correlation_id, event_type, detail, recorded_at
		FROM commandbus.audit_log
		WHERE domain = $1 AND command_id = $2
		ORDER BY recorded_at ASC, id ASC
	`, domain, commandID)
	if err != nil {
		return nil, fmt.Errorf("audit: trail %s/%s: %w", domain, commandID, err)
	}
	defer rows.Close()

	var out []Entry
	for rows.Next() {
		var e Entry
		var detail []byte
		if err := rows.Scan(&e.Domain, &e.CommandID, &e.CorrelationID, &e.EventType, &detail, &e.RecordedAt); err != nil {
			return nil, fmt.Errorf("audit: scan trail row: %w", err)
		}
		e.Detail = detail
		out = append(out, e)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return out, nil
}

// Event type constants used across producer, worker and TSQ.
const (
	EventSent             = "SENT"
	EventReceived         = "RECEIVED"
	EventStarted          = "STARTED"
	EventCompleted        = "COMPLETED"
	EventFailed           = "FAILED"
	EventRetryScheduled   = "RETRY_SCHEDULED"
	EventRetryExhausted   = "RETRY_EXHAUSTED"
	EventMovedToTSQ       = "MOVED_TO_TSQ"
	EventOperatorRetry    = "OPERATOR_RETRY"
	EventOperatorCancel   = "OPERATOR_CANCEL"
	EventOperatorComplete = "OPERATOR_COMPLETE"
)

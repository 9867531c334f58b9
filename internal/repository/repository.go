// Package repository persists command metadata and enforces the
// (domain, command_id) idempotency guarantee the producer relies on. It
// mirrors the command's lifecycle status independently of the queue message
// itself, which is archived/deleted long before the command's audit history
// is done being useful.
package repository

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/FreeSideNomad/rcmd-sub001/internal/commanderrors"
)

// Status is a command's lifecycle state.
type Status string

const (
	StatusPending             Status = "PENDING"
	StatusInProgress          Status = "IN_PROGRESS"
	StatusCompleted           Status = "COMPLETED"
	StatusFailed              Status = "FAILED"
	StatusCanceled            Status = "CANCELED"
	StatusInTroubleshooting   Status = "IN_TROUBLESHOOTING_QUEUE"
)

// Command is the persisted metadata row for one command instance.
type Command struct {
	Domain          string
	CommandID       string
	CommandType     string
	CorrelationID   string
	ProcessID       string // empty when not part of a saga
	Payload         json.RawMessage
	Status          Status
	Attempts        int
	MaxAttempts     int
	MsgID           sql.NullInt64
	LastError       sql.NullString
	LastErrorCode   sql.NullString
	NotifyTSQFailure bool
	CreatedAt       time.Time
	UpdatedAt       time.Time
}

// Filter narrows a Query call. Zero-valued fields are not applied.
type Filter struct {
	Domain        string
	Status        Status
	CommandType   string
	CorrelationID string
	ProcessID     string
	Limit         int
	Offset        int
}

// Repository is backed by commandbus.command rows, one per (domain, command_id).
type Repository struct {
	db *sql.DB
}

// New builds a Repository over an already-open pool.
func New(db *sql.DB) *Repository {
	return &Repository{db: db}
}

// Save inserts a new command row within tx, returning
// *commanderrors.DuplicateCommandError if (domain, command_id) already
// exists. Runs inside the caller's transaction so the insert commits
// atomically with the queue Send (C6 relies on this).
func (r *Repository) Save(ctx context.Context, tx *sql.Tx, cmd *Command) error {
	query := `
		INSERT INTO commandbus.command
			(domain, command_id, command_type, correlation_id, process_id, payload,
			 status, attempts, max_attempts, notify_tsq_failure, created_at, updated_at)
		VALUES ($1, $2, $3, $4, NULLIF($5, ''), $6, $7, 0, $8, $9, now(), now())
	`
	_, err := tx.ExecContext(ctx, query,
		cmd.Domain, cmd.CommandID, cmd.CommandType, cmd.CorrelationID, cmd.ProcessID,
		[]byte(cmd.Payload), StatusPending, cmd.MaxAttempts, cmd.NotifyTSQFailure,
	)
	if err != nil {
		if isUniqueViolation(err) {
			return &commanderrors.DuplicateCommandError{Domain: cmd.Domain, CommandID: cmd.CommandID}
		}
		return fmt.Errorf("repository: save command %s/%s: %w", cmd.Domain, cmd.CommandID, err)
	}
	return nil
}

// Exists reports whether a (domain, command_id) row is already present.
func (r *Repository) Exists(ctx context.Context, domain, commandID string) (bool, error) {
	var exists bool
	err := r.db.QueryRowContext(ctx, `
		SELECT EXISTS(SELECT 1 FROM commandbus.command WHERE domain = $1 AND command_id = $2)
	`, domain, commandID).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("repository: exists %s/%s: %w", domain, commandID, err)
	}
	return exists, nil
}

// Get fetches one command row, or sql.ErrNoRows if it doesn't exist.
func (r *Repository) Get(ctx context.Context, domain, commandID string) (*Command, error) {
	return r.scanOne(r.db.QueryRowContext(ctx, `
		SELECT domain, command_id, command_type, correlation_id, COALESCE(process_id, ''),
		       payload, status, attempts, max_attempts, msg_id, last_error, last_error_code,
		       notify_tsq_failure, created_at, updated_at
		FROM commandbus.command WHERE domain = $1 AND command_id = $2
	`, domain, commandID))
}

func (r *Repository) scanOne(row *sql.Row) (*Command, error) {
	var c Command
	var payload []byte
	if err := row.Scan(
		&c.Domain, &c.CommandID, &c.CommandType, &c.CorrelationID, &c.ProcessID,
		&payload, &c.Status, &c.Attempts, &c.MaxAttempts, &c.MsgID, &c.LastError, &c.LastErrorCode,
		&c.NotifyTSQFailure, &c.CreatedAt, &c.UpdatedAt,
	); err != nil {
		return nil, err
	}
	c.Payload = payload
	return &c, nil
}

// UpdateMsgID records the queue message id assigned at enqueue time.
func (r *Repository) UpdateMsgID(ctx context.Context, tx *sql.Tx, domain, commandID string, msgID int64) error {
	_, err := tx.ExecContext(ctx, `
		UPDATE commandbus.command SET msg_id = $1, updated_at = now()
		WHERE domain = $2 AND command_id = $3
	`, msgID, domain, commandID)
	if err != nil {
		return fmt.Errorf("repository: update_msg_id %s/%s: %w", domain, commandID, err)
	}
	return nil
}

// UpdateStatus transitions a command's status, optionally inside the
// caller's transaction (pass nil to run standalone on the pool directly).
func (r *Repository) UpdateStatus(ctx context.Context, tx *sql.Tx, domain, commandID string, status Status) error {
	query := `UPDATE commandbus.command SET status = $1, updated_at = now() WHERE domain = $2 AND command_id = $3`
	var err error
	if tx != nil {
		_, err = tx.ExecContext(ctx, query, status, domain, commandID)
	} else {
		_, err = r.db.ExecContext(ctx, query, status, domain, commandID)
	}
	if err != nil {
		return fmt.Errorf("repository: update_status %s/%s -> %s: %w", domain, commandID, status, err)
	}
	return nil
}

// IncrementAttempts bumps the attempt counter and returns the new count.
func (r *Repository) IncrementAttempts(ctx context.Context, tx *sql.Tx, domain, commandID string) (int, error) {
	var attempts int
	query := `
		UPDATE commandbus.command SET attempts = attempts + 1, updated_at = now()
		WHERE domain = $1 AND command_id = $2
		RETURNING attempts
	`
	var err error
	if tx != nil {
		err = tx.QueryRowContext(ctx, query, domain, commandID).Scan(&attempts)
	} else {
		err = r.db.QueryRowContext(ctx, query, domain, commandID).Scan(&attempts)
	}
	if err != nil {
		return 0, fmt.Errorf("repository: increment_attempts %s/%s: %w", domain, commandID, err)
	}
	return attempts, nil
}

// RecordError stores the last error's classification code and message
// alongside a status transition, in one statement.
func (r *Repository) RecordError(ctx context.Context, tx *sql.Tx, domain, commandID string, status Status, code, message string) error {
	query := `
		UPDATE commandbus.command
		SET status = $1, last_error_code = $2, last_error = $3, updated_at = now()
		WHERE domain = $4 AND command_id = $5
	`
	var err error
	if tx != nil {
		_, err = tx.ExecContext(ctx, query, status, code, message, domain, commandID)
	} else {
		_, err = r.db.ExecContext(ctx, query, status, code, message, domain, commandID)
	}
	if err != nil {
		return fmt.Errorf("repository: record_error %s/%s: %w", domain, commandID, err)
	}
	return nil
}

// Query lists commands matching filter, newest first.
func (r *Repository) Query(ctx context.Context, f Filter) ([]*Command, error) {
	query := `
		SELECT domain, command_id, command_type, correlation_id, COALESCE(process_id, ''),
		       payload, status, attempts, max_attempts, msg_id, last_error, last_error_code,
		       notify_tsq_failure, created_at, updated_at
		FROM commandbus.command WHERE 1=1
	`
	var args []interface{}
	arg := func(v interface{}) string {
		args = append(args, v)
		return fmt.Sprintf("$%d", len(args))
	}
	if f.Domain != "" {
		query += " AND domain = " + arg(f.Domain)
	}
	if f.Status != "" {
		query += " AND status = " + arg(f.Status)
	}
	if f.CommandType != "" {
		query += " AND command_type = " + arg(f.CommandType)
	}
	if f.CorrelationID != "" {
		query += " AND correlation_id = " + arg(f.CorrelationID)
	}
	if f.ProcessID != "" {
		query += " AND process_id = " + arg(f.ProcessID)
	}
	query += " ORDER BY created_at DESC, command_id DESC"
	limit := f.Limit
	if limit <= 0 {
		limit = 100
	}
	query += " LIMIT " + arg(limit)
	if f.Offset > 0 {
		query += " OFFSET " + arg(f.Offset)
	}

	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("repository: query: %w", err)
	}
	defer rows.Close()

	var out []*Command
	for rows.Next() {
		var c Command
		var payload []byte
		if err := rows.Scan(
			&c.Domain, &c.CommandID, &c.CommandType, &c.CorrelationID, &c.ProcessID,
			&payload, &c.Status, &c.Attempts, &c.MaxAttempts, &c.MsgID, &c.LastError, &c.LastErrorCode,
			&c.NotifyTSQFailure, &c.CreatedAt, &c.UpdatedAt,
		); err != nil {
			return nil, fmt.Errorf("repository: scan query row: %w", err)
		}
		c.Payload = payload
		out = append(out, &c)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return out, nil
}

// FindStuckInProgress returns commands that have sat in IN_PROGRESS past
// olderThan, a sign their worker died mid-handler without the watchdog's VT
// extension ever landing (or landed and then the worker itself crashed).
func (r *Repository) FindStuckInProgress(ctx context.Context, domain string, olderThan time.Time) ([]*Command, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT domain, command_id, command_type, correlation_id, COALESCE(process_id, ''),
		       payload, status, attempts, max_attempts, msg_id, last_error, last_error_code,
		       notify_tsq_failure, created_at, updated_at
		FROM commandbus.command
		WHERE domain = $1 AND status = $2 AND updated_at < $3
	`, domain, StatusInProgress, olderThan)
	if err != nil {
		return nil, fmt.Errorf("repository: find_stuck_in_progress %s: %w", domain, err)
	}
	defer rows.Close()

	var out []*Command
	for rows.Next() {
		var c Command
		var payload []byte
		if err := rows.Scan(
			&c.Domain, &c.CommandID, &c.CommandType, &c.CorrelationID, &c.ProcessID,
			&payload, &c.Status, &c.Attempts, &c.MaxAttempts, &c.MsgID, &c.LastError, &c.LastErrorCode,
			&c.NotifyTSQFailure, &c.CreatedAt, &c.UpdatedAt,
		); err != nil {
			return nil, fmt.Errorf("repository: scan stuck row: %w", err)
		}
		c.Payload = payload
		out = append(out, &c)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return out, nil
}

// isUniqueViolation detects Postgres' unique_violation SQLSTATE (23505)
// without importing a driver-specific error type, since the pool may be
// fronted by pgx while other call sites expect a plain database/sql error.
func isUniqueViolation(err error) bool {
	var pgErr interface{ SQLState() string }
	if errors.As(err, &pgErr) {
		return pgErr.SQLState() == "23505"
	}
	return false
}

// Package queue implements the PGMQ-style durable queue primitives the rest
// of the command bus is built on: per-domain queue tables, visibility-timeout
// claiming via FOR UPDATE SKIP LOCKED, archiving and the commit-time NOTIFY
// fast path. It knows nothing about command metadata, handlers or retries —
// those live in internal/repository, internal/registry and internal/retry.
package queue

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/getsentry/sentry-go"
	"github.com/rs/zerolog/log"

	"github.com/FreeSideNomad/rcmd-sub001/internal/dbconn"
)

// ErrPoolSaturated is returned by Execute when the connection pool is above
// its reject threshold; callers should treat it like a transient backpressure
// signal rather than a hard failure.
var ErrPoolSaturated = errors.New("database connection pool saturated")

// ErrEmpty reports that no message is visible. Read does not return it: an
// empty queue yields an empty slice and a nil error.
var ErrEmpty = errors.New("queue: no visible message")

const (
	defaultPoolWarnThreshold   = 0.80
	defaultPoolRejectThreshold = 0.90
	poolLogCooldown            = 5 * time.Second
)

// Message is a single row claimed off a domain queue.
type Message struct {
	MsgID      int64
	CommandID  string
	Domain     string
	Payload    []byte // JSON-encoded command envelope
	ReadCount  int
	EnqueuedAt time.Time
	VT         time.Time // visibility-timeout deadline
}

// Queue is the PGMQ-style driver bound to one *sql.DB pool. A single Queue
// instance serves every domain's queue table.
type Queue struct {
	db *dbconn.DB

	cleanupMutex        sync.Mutex
	poolWarnThreshold   float64
	poolRejectThreshold float64
	lastWarnLog         time.Time
	lastRejectLog       time.Time
}

// New builds a Queue driver over an already-open connection pool.
func New(db *dbconn.DB) *Queue {
	warn := parseThresholdEnv("RCMD_POOL_WARN_THRESHOLD", defaultPoolWarnThreshold)
	reject := parseThresholdEnv("RCMD_POOL_REJECT_THRESHOLD", defaultPoolRejectThreshold)

	if reject <= 0 || reject > 1 {
		reject = defaultPoolRejectThreshold
	}
	if warn <= 0 || warn >= reject {
		warn = reject - 0.05
		if warn <= 0 {
			warn = defaultPoolWarnThreshold
		}
	}

	return &Queue{
		db:                  db,
		poolWarnThreshold:   warn,
		poolRejectThreshold: reject,
	}
}

func parseThresholdEnv(key string, fallback float64) float64 {
	if val := strings.TrimSpace(os.Getenv(key)); val != "" {
		if parsed, err := strconv.ParseFloat(val, 64); err == nil {
			return parsed
		}
	}
	return fallback
}

// Execute runs fn inside a transaction, rejecting up front if the pool is
// saturated so a struggling database degrades producers/workers instead of
// queueing every caller behind an ever-growing backlog of open connections.
func (q *Queue) Execute(ctx context.Context, fn func(*sql.Tx) error) error {
	if _, ok := ctx.Deadline(); !ok {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, 30*time.Second)
		defer cancel()
	}

	if err := q.ensurePoolCapacity(); err != nil {
		return err
	}

	tx, err := q.db.Client.BeginTx(ctx, nil)
	if err != nil {
		sentry.CaptureException(err)
		return fmt.Errorf("queue: begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if err := fn(tx); err != nil {
		return err
	}

	if err := tx.Commit(); err != nil {
		sentry.CaptureException(err)
		return fmt.Errorf("queue: commit transaction: %w", err)
	}

	return nil
}

// ExecuteMaintenance bypasses the pool-saturation guard for short, must-run
// housekeeping and keeps a tight statement timeout (5s) so it never itself
// becomes the saturation cause.
func (q *Queue) ExecuteMaintenance(ctx context.Context, fn func(*sql.Tx) error) error {
	if q == nil || q.db == nil || q.db.Client == nil {
		return fmt.Errorf("queue: maintenance transaction requires an initialised connection")
	}

	if _, ok := ctx.Deadline(); !ok {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, 10*time.Second)
		defer cancel()
	}

	tx, err := q.db.Client.BeginTx(ctx, &sql.TxOptions{})
	if err != nil {
		sentry.CaptureException(err)
		return fmt.Errorf("queue: begin maintenance transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx, `SET LOCAL statement_timeout = '5s'`); err != nil {
		log.Warn().Err(err).Msg("failed to set maintenance statement timeout")
	}

	if err := fn(tx); err != nil {
		return err
	}

	if err := tx.Commit(); err != nil {
		sentry.CaptureException(err)
		return fmt.Errorf("queue: commit maintenance transaction: %w", err)
	}

	return nil
}

func (q *Queue) ensurePoolCapacity() error {
	if q == nil || q.db == nil || q.db.Client == nil {
		return nil
	}

	stats := q.db.Client.Stats()
	maxOpen := stats.MaxOpenConnections
	if maxOpen == 0 && q.db.Config != nil {
		maxOpen = q.db.Config.MaxOpenConns
	}
	if maxOpen <= 0 {
		return nil
	}

	usage := float64(stats.InUse) / float64(maxOpen)

	if usage >= q.poolRejectThreshold {
		if time.Since(q.lastRejectLog) > poolLogCooldown {
			log.Warn().Int("in_use", stats.InUse).Int("max_open", maxOpen).Float64("usage", usage).
				Msg("command queue pool saturated: rejecting request")
			sentry.WithScope(func(scope *sentry.Scope) {
				scope.SetLevel(sentry.LevelWarning)
				scope.SetTag("event_type", "db_pool")
				scope.SetTag("state", "reject")
				sentry.CaptureMessage("command queue pool saturated")
			})
			q.lastRejectLog = time.Now()
		}
		return ErrPoolSaturated
	}

	if usage >= q.poolWarnThreshold && time.Since(q.lastWarnLog) > poolLogCooldown {
		log.Warn().Int("in_use", stats.InUse).Int("max_open", maxOpen).Float64("usage", usage).
			Msg("command queue pool nearing capacity")
		q.lastWarnLog = time.Now()
	}

	return nil
}

// tableName returns the per-domain queue table name, namespaced under the
// commandbus schema (e.g. commandbus.q_orders).
func tableName(domain string) string {
	return fmt.Sprintf("commandbus.q_%s", domain)
}

func archiveTableName(domain string) string {
	return fmt.Sprintf("commandbus.q_%s_archive", domain)
}

// Send enqueues payload on domain's queue and returns the new message id.
// It participates in the caller's transaction so enqueue and command-row
// insert commit atomically (C6 relies on this).
func (q *Queue) Send(ctx context.Context, tx *sql.Tx, domain, commandID string, payload []byte) (int64, error) {
	var msgID int64
	query := fmt.Sprintf(`
		INSERT INTO %s (command_id, payload, enqueued_at, vt, read_count)
		VALUES ($1, $2, now(), now(), 0)
		RETURNING msg_id
	`, tableName(domain))
	if err := tx.QueryRowContext(ctx, query, commandID, payload).Scan(&msgID); err != nil {
		return 0, fmt.Errorf("queue: send to domain %q: %w", domain, err)
	}
	return msgID, nil
}

// SendBatch enqueues many payloads for domain inside tx, one INSERT per
// payload, and returns their message ids in input order.
func (q *Queue) SendBatch(ctx context.Context, tx *sql.Tx, domain string, commandIDs []string, payloads [][]byte) ([]int64, error) {
	if len(commandIDs) != len(payloads) {
		return nil, fmt.Errorf("queue: send_batch: commandIDs and payloads length mismatch")
	}
	ids := make([]int64, 0, len(commandIDs))
	query := fmt.Sprintf(`
		INSERT INTO %s (command_id, payload, enqueued_at, vt, read_count)
		VALUES ($1, $2, now(), now(), 0)
		RETURNING msg_id
	`, tableName(domain))
	for i := range commandIDs {
		var msgID int64
		if err := tx.QueryRowContext(ctx, query, commandIDs[i], payloads[i]).Scan(&msgID); err != nil {
			return nil, fmt.Errorf("queue: send_batch item %d to domain %q: %w", i, domain, err)
		}
		ids = append(ids, msgID)
	}
	return ids, nil
}

// Read claims up to limit visible messages from domain's queue, setting
// their vt to now()+vtSeconds so other workers skip them until it elapses.
// Uses FOR UPDATE SKIP LOCKED so concurrent workers never double-claim.
func (q *Queue) Read(ctx context.Context, domain string, vtSeconds int, limit int) ([]Message, error) {
	var messages []Message

	err := q.Execute(ctx, func(tx *sql.Tx) error {
		query := fmt.Sprintf(`
			SELECT msg_id, command_id, payload, read_count, enqueued_at, vt
			FROM %s
			WHERE vt <= now()
			ORDER BY msg_id ASC
			LIMIT $1
			FOR UPDATE SKIP LOCKED
		`, tableName(domain))

		rows, err := tx.QueryContext(ctx, query, limit)
		if err != nil {
			return fmt.Errorf("queue: read from domain %q: %w", domain, err)
		}

		var claimed []Message
		for rows.Next() {
			var m Message
			m.Domain = domain
			if err := rows.Scan(&m.MsgID, &m.CommandID, &m.Payload, &m.ReadCount, &m.EnqueuedAt, &m.VT); err != nil {
				rows.Close()
				return fmt.Errorf("queue: scan message: %w", err)
			}
			claimed = append(claimed, m)
		}
		if err := rows.Err(); err != nil {
			return err
		}
		rows.Close()

		if len(claimed) == 0 {
			return nil
		}

		ids := make([]int64, len(claimed))
		for i, m := range claimed {
			ids[i] = m.MsgID
		}

		updateQuery := fmt.Sprintf(`
			UPDATE %s
			SET vt = now() + ($1 || ' seconds')::interval, read_count = read_count + 1
			WHERE msg_id = ANY($2)
		`, tableName(domain))
		if _, err := tx.ExecContext(ctx, updateQuery, vtSeconds, pqInt64Array(ids)); err != nil {
			return fmt.Errorf("queue: extend vt on claim: %w", err)
		}

		newVT := time.Now().Add(time.Duration(vtSeconds) * time.Second)
		for i := range claimed {
			claimed[i].VT = newVT
			claimed[i].ReadCount++
		}
		messages = claimed
		return nil
	})

	if err != nil {
		return nil, err
	}
	return messages, nil
}

// SetVT extends (or shortens) a claimed message's visibility deadline. The
// worker's watchdog calls this mid-handler to keep a long-running command
// claimed without it being re-read by another worker.
func (q *Queue) SetVT(ctx context.Context, domain string, msgID int64, vtSeconds int) error {
	return q.Execute(ctx, func(tx *sql.Tx) error {
		query := fmt.Sprintf(`UPDATE %s SET vt = now() + ($1 || ' seconds')::interval WHERE msg_id = $2`, tableName(domain))
		res, err := tx.ExecContext(ctx, query, vtSeconds, msgID)
		if err != nil {
			return fmt.Errorf("queue: set_vt domain %q msg %d: %w", domain, msgID, err)
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return fmt.Errorf("queue: set_vt: message %d not found in domain %q", msgID, domain)
		}
		return nil
	})
}

// Delete removes a message outright, without archiving it (the reply router
// uses it for reply messages it has consumed or discarded).
func (q *Queue) Delete(ctx context.Context, tx *sql.Tx, domain string, msgID int64) error {
	query := fmt.Sprintf(`DELETE FROM %s WHERE msg_id = $1`, tableName(domain))
	if _, err := tx.ExecContext(ctx, query, msgID); err != nil {
		return fmt.Errorf("queue: delete domain %q msg %d: %w", domain, msgID, err)
	}
	return nil
}

// Archive moves a message from the live queue table into its archive table
// in one statement, preserving payload and counters for audit/TSQ inspection.
func (q *Queue) Archive(ctx context.Context, tx *sql.Tx, domain string, msgID int64) error {
	query := fmt.Sprintf(`
		WITH moved AS (
			DELETE FROM %s WHERE msg_id = $1
			RETURNING msg_id, command_id, payload, read_count, enqueued_at
		)
		INSERT INTO %s (msg_id, command_id, payload, read_count, enqueued_at, archived_at)
		SELECT msg_id, command_id, payload, read_count, enqueued_at, now() FROM moved
	`, tableName(domain), archiveTableName(domain))
	res, err := tx.ExecContext(ctx, query, msgID)
	if err != nil {
		return fmt.Errorf("queue: archive domain %q msg %d: %w", domain, msgID, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("queue: archive: message %d not found in domain %q", msgID, domain)
	}
	return nil
}

// NotifyChannel returns the LISTEN/NOTIFY channel name a domain's workers
// subscribe to for the wake-up fast path.
func NotifyChannel(domain string) string {
	return fmt.Sprintf("commandbus_%s", domain)
}

// Notify sends a NOTIFY on domain's channel, deferred to commit by virtue of
// running inside the same transaction as the Send that produced the message.
func (q *Queue) Notify(ctx context.Context, tx *sql.Tx, domain string) error {
	_, err := tx.ExecContext(ctx, fmt.Sprintf(`NOTIFY %s`, NotifyChannel(domain)))
	if err != nil {
		return fmt.Errorf("queue: notify domain %q: %w", domain, err)
	}
	return nil
}

// pqInt64Array renders a Go []int64 as a Postgres array literal usable with
// ANY($1) without requiring the lib/pq array helper in the pgx-based pool.
func pqInt64Array(ids []int64) string {
	parts := make([]string, len(ids))
	for i, id := range ids {
		parts[i] = strconv.FormatInt(id, 10)
	}
	return "{" + strings.Join(parts, ",") + "}"
}

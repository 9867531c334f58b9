// Package tsq is the troubleshooting queue: commands a worker gave up on
// permanently land here for an operator to inspect and resolve, either by
// retrying, cancelling or force-completing them.
package tsq

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/rs/zerolog/log"

	"github.com/FreeSideNomad/rcmd-sub001/internal/audit"
	"github.com/FreeSideNomad/rcmd-sub001/internal/commanderrors"
	"github.com/FreeSideNomad/rcmd-sub001/internal/observability"
	"github.com/FreeSideNomad/rcmd-sub001/internal/queue"
	"github.com/FreeSideNomad/rcmd-sub001/internal/repository"
)

// AlertHook is notified whenever a command is enrolled, so operator-facing
// channels (Slack) can be wired in without this package depending on them.
type AlertHook interface {
	Alert(domain, commandID, lastError string)
}

// Queue is the troubleshooting-queue API, backed by the same command
// repository and audit logger the worker and bus use.
type Queue struct {
	repo  *repository.Repository
	audit *audit.Logger
	queue *queue.Queue
	hook  AlertHook
}

// New builds a troubleshooting Queue. hook may be nil.
func New(repo *repository.Repository, auditLog *audit.Logger, q *queue.Queue, hook AlertHook) *Queue {
	return &Queue{repo: repo, audit: auditLog, queue: q, hook: hook}
}

// Enroll announces that a command has entered the troubleshooting queue: it
// fires the alert hook and counts the enrollment. It writes nothing itself;
// internal/worker's finalizePermanent sets the status and archives the
// message in the transaction it passes as tx.
func (t *Queue) Enroll(ctx context.Context, tx *sql.Tx, domain, commandID string, lastErr error) error {
	if t.hook != nil {
		// Best-effort: an alert failure must never roll back the enrollment.
		func() {
			defer func() {
				if r := recover(); r != nil {
					log.Warn().Interface("panic", r).Msg("tsq alert hook panicked")
				}
			}()
			t.hook.Alert(domain, commandID, lastErr.Error())
		}()
	}
	observability.RecordTSQEnrollment(ctx, domain)
	return nil
}

// List returns commands currently sitting in the troubleshooting queue,
// optionally narrowed to one domain (pass "" for all domains).
func (t *Queue) List(ctx context.Context, domain string, limit, offset int) ([]*repository.Command, error) {
	return t.repo.Query(ctx, repository.Filter{
		Domain: domain,
		Status: repository.StatusInTroubleshooting,
		Limit:  limit,
		Offset: offset,
	})
}

// Count returns how many commands are currently in the troubleshooting
// queue, optionally narrowed to one domain.
func (t *Queue) Count(ctx context.Context, domain string) (int, error) {
	cmds, err := t.repo.Query(ctx, repository.Filter{Domain: domain, Status: repository.StatusInTroubleshooting, Limit: 1 << 30})
	if err != nil {
		return 0, err
	}
	observability.RecordTSQSize(ctx, domain, int64(len(cmds)))
	return len(cmds), nil
}

func (t *Queue) loadInTSQ(ctx context.Context, domain, commandID string) (*repository.Command, error) {
	cmd, err := t.repo.Get(ctx, domain, commandID)
	if err != nil {
		return nil, fmt.Errorf("tsq: load %s/%s: %w", domain, commandID, err)
	}
	if cmd.Status != repository.StatusInTroubleshooting {
		return nil, &commanderrors.NotInTroubleshootingQueueError{Domain: domain, CommandID: commandID, CurrentStatus: string(cmd.Status)}
	}
	return cmd, nil
}

// OperatorRetry re-enqueues a troubleshooting-queue command, resetting its
// attempt counter so the retry policy starts fresh.
func (t *Queue) OperatorRetry(ctx context.Context, domain, commandID string) error {
	cmd, err := t.loadInTSQ(ctx, domain, commandID)
	if err != nil {
		return err
	}

	return t.queue.Execute(ctx, func(tx *sql.Tx) error {
		msgID, err := t.queue.Send(ctx, tx, domain, commandID, cmd.Payload)
		if err != nil {
			return err
		}
		if err := t.repo.UpdateMsgID(ctx, tx, domain, commandID, msgID); err != nil {
			return err
		}
		if err := t.repo.UpdateStatus(ctx, tx, domain, commandID, repository.StatusPending); err != nil {
			return err
		}
		var attempts int
		if err := tx.QueryRowContext(ctx,
			`UPDATE commandbus.command SET attempts = 0, updated_at = now() WHERE domain = $1 AND command_id = $2 RETURNING attempts`,
			domain, commandID).Scan(&attempts); err != nil {
			return fmt.Errorf("tsq: reset attempts %s/%s: %w", domain, commandID, err)
		}
		if err := t.repo.RecordError(ctx, tx, domain, commandID, repository.StatusPending, "", ""); err != nil {
			return err
		}
		if err := t.audit.Log(ctx, tx, audit.Entry{
			Domain: domain, CommandID: commandID, CorrelationID: cmd.CorrelationID, EventType: audit.EventOperatorRetry,
		}); err != nil {
			return err
		}
		observability.RecordTSQOperatorAction(ctx, domain, "retry")
		return t.queue.Notify(ctx, tx, domain)
	})
}

// OperatorCancel marks a troubleshooting-queue command CANCELED without
// re-enqueueing it.
func (t *Queue) OperatorCancel(ctx context.Context, domain, commandID string) error {
	cmd, err := t.loadInTSQ(ctx, domain, commandID)
	if err != nil {
		return err
	}
	return t.queue.Execute(ctx, func(tx *sql.Tx) error {
		if err := t.repo.UpdateStatus(ctx, tx, domain, commandID, repository.StatusCanceled); err != nil {
			return err
		}
		observability.RecordTSQOperatorAction(ctx, domain, "cancel")
		return t.audit.Log(ctx, tx, audit.Entry{
			Domain: domain, CommandID: commandID, CorrelationID: cmd.CorrelationID, EventType: audit.EventOperatorCancel,
		})
	})
}

// OperatorComplete marks a troubleshooting-queue command COMPLETED by
// operator fiat (e.g. the side effect was confirmed to have happened
// out-of-band), without re-running the handler.
func (t *Queue) OperatorComplete(ctx context.Context, domain, commandID string) error {
	cmd, err := t.loadInTSQ(ctx, domain, commandID)
	if err != nil {
		return err
	}
	return t.queue.Execute(ctx, func(tx *sql.Tx) error {
		if err := t.repo.UpdateStatus(ctx, tx, domain, commandID, repository.StatusCompleted); err != nil {
			return err
		}
		observability.RecordTSQOperatorAction(ctx, domain, "complete")
		return t.audit.Log(ctx, tx, audit.Entry{
			Domain: domain, CommandID: commandID, CorrelationID: cmd.CorrelationID, EventType: audit.EventOperatorComplete,
		})
	})
}

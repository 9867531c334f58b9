// Package bus is the command bus producer: it accepts commands from
// callers, persists them alongside an enqueue, and exposes the read-side
// query API producers use to poll outcomes. Every write path runs inside a
// single transaction so the command row, its queue message and its first
// audit entry commit atomically.
package bus

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"

	"github.com/getsentry/sentry-go"
	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/FreeSideNomad/rcmd-sub001/internal/audit"
	"github.com/FreeSideNomad/rcmd-sub001/internal/queue"
	"github.com/FreeSideNomad/rcmd-sub001/internal/repository"
)

// Executor runs fn inside a transaction; satisfied by *queue.Queue.
type Executor interface {
	Execute(ctx context.Context, fn func(*sql.Tx) error) error
}

// Command is a caller-supplied instruction to send. CommandID, if empty, is
// generated; CorrelationID, if empty, defaults to CommandID so a standalone
// command still gets a trail to query by.
type Command struct {
	Domain           string
	CommandID        string
	CommandType      string
	CorrelationID    string
	ProcessID        string
	Payload          json.RawMessage
	MaxAttempts      int
	NotifyTSQFailure bool
	VisibilitySecs   int
}

// Bus is the producer-facing API: enqueue commands and read back their
// status and audit trail.
type Bus struct {
	exec  Executor
	queue *queue.Queue
	repo  *repository.Repository
	audit *audit.Logger
}

// New wires the producer over the shared queue driver, repository and audit
// logger. All three must be built over the same *sql.DB pool.
func New(q *queue.Queue, repo *repository.Repository, auditLog *audit.Logger) *Bus {
	return &Bus{exec: q, queue: q, repo: repo, audit: auditLog}
}

const defaultVisibilitySecs = 30

// Send persists cmd and enqueues it atomically, returning the resolved
// command ID (generated if the caller didn't supply one).
func (b *Bus) Send(ctx context.Context, cmd Command) (string, error) {
	span := sentry.StartSpan(ctx, "bus.send")
	defer span.Finish()
	span.SetTag("domain", cmd.Domain)
	span.SetTag("command_type", cmd.CommandType)

	if cmd.CommandID == "" {
		cmd.CommandID = uuid.New().String()
	}
	if cmd.CorrelationID == "" {
		cmd.CorrelationID = cmd.CommandID
	}
	if cmd.MaxAttempts <= 0 {
		cmd.MaxAttempts = 3
	}
	vt := cmd.VisibilitySecs
	if vt <= 0 {
		vt = defaultVisibilitySecs
	}

	err := b.exec.Execute(ctx, func(tx *sql.Tx) error {
		row := &repository.Command{
			Domain:           cmd.Domain,
			CommandID:        cmd.CommandID,
			CommandType:      cmd.CommandType,
			CorrelationID:    cmd.CorrelationID,
			ProcessID:        cmd.ProcessID,
			Payload:          cmd.Payload,
			MaxAttempts:      cmd.MaxAttempts,
			NotifyTSQFailure: cmd.NotifyTSQFailure,
		}
		if err := b.repo.Save(ctx, tx, row); err != nil {
			return err
		}

		msgID, err := b.queue.Send(ctx, tx, cmd.Domain, cmd.CommandID, []byte(cmd.Payload))
		if err != nil {
			return err
		}
		if err := b.repo.UpdateMsgID(ctx, tx, cmd.Domain, cmd.CommandID, msgID); err != nil {
			return err
		}

		if err := b.audit.Log(ctx, tx, audit.Entry{
			Domain:        cmd.Domain,
			CommandID:     cmd.CommandID,
			CorrelationID: cmd.CorrelationID,
			EventType:     audit.EventSent,
			Detail:        mustDetail(map[string]interface{}{"command_type": cmd.CommandType}),
		}); err != nil {
			return err
		}

		return b.queue.Notify(ctx, tx, cmd.Domain)
	})

	if err != nil {
		sentry.CaptureException(err)
		return "", fmt.Errorf("bus: send %s/%s: %w", cmd.Domain, cmd.CommandID, err)
	}

	log.Info().Str("domain", cmd.Domain).Str("command_id", cmd.CommandID).Str("command_type", cmd.CommandType).
		Msg("command sent")

	return cmd.CommandID, nil
}

// SendBatch sends many commands atomically: either all persist, enqueue and
// audit, or none do.
func (b *Bus) SendBatch(ctx context.Context, cmds []Command) ([]string, error) {
	span := sentry.StartSpan(ctx, "bus.send_batch")
	defer span.Finish()
	span.SetTag("count", fmt.Sprintf("%d", len(cmds)))

	ids := make([]string, len(cmds))
	err := b.exec.Execute(ctx, func(tx *sql.Tx) error {
		for i := range cmds {
			cmd := &cmds[i]
			if cmd.CommandID == "" {
				cmd.CommandID = uuid.New().String()
			}
			if cmd.CorrelationID == "" {
				cmd.CorrelationID = cmd.CommandID
			}
			if cmd.MaxAttempts <= 0 {
				cmd.MaxAttempts = 3
			}

			row := &repository.Command{
				Domain:           cmd.Domain,
				CommandID:        cmd.CommandID,
				CommandType:      cmd.CommandType,
				CorrelationID:    cmd.CorrelationID,
				ProcessID:        cmd.ProcessID,
				Payload:          cmd.Payload,
				MaxAttempts:      cmd.MaxAttempts,
				NotifyTSQFailure: cmd.NotifyTSQFailure,
			}
			if err := b.repo.Save(ctx, tx, row); err != nil {
				return fmt.Errorf("item %d: %w", i, err)
			}

			msgID, err := b.queue.Send(ctx, tx, cmd.Domain, cmd.CommandID, []byte(cmd.Payload))
			if err != nil {
				return fmt.Errorf("item %d: %w", i, err)
			}
			if err := b.repo.UpdateMsgID(ctx, tx, cmd.Domain, cmd.CommandID, msgID); err != nil {
				return fmt.Errorf("item %d: %w", i, err)
			}
			if err := b.audit.Log(ctx, tx, audit.Entry{
				Domain:        cmd.Domain,
				CommandID:     cmd.CommandID,
				CorrelationID: cmd.CorrelationID,
				EventType:     audit.EventSent,
				Detail:        mustDetail(map[string]interface{}{"command_type": cmd.CommandType, "batch": true}),
			}); err != nil {
				return fmt.Errorf("item %d: %w", i, err)
			}

			ids[i] = cmd.CommandID
		}

		domains := distinctDomains(cmds)
		for _, d := range domains {
			if err := b.queue.Notify(ctx, tx, d); err != nil {
				return err
			}
		}
		return nil
	})

	if err != nil {
		sentry.CaptureException(err)
		return nil, fmt.Errorf("bus: send_batch: %w", err)
	}
	return ids, nil
}

// GetCommand returns a command's current metadata row.
func (b *Bus) GetCommand(ctx context.Context, domain, commandID string) (*repository.Command, error) {
	return b.repo.Get(ctx, domain, commandID)
}

// QueryCommands lists commands matching filter.
func (b *Bus) QueryCommands(ctx context.Context, filter repository.Filter) ([]*repository.Command, error) {
	return b.repo.Query(ctx, filter)
}

// GetAuditTrail returns a command's full audit history.
func (b *Bus) GetAuditTrail(ctx context.Context, domain, commandID string) ([]audit.Entry, error) {
	return b.audit.Trail(ctx, domain, commandID)
}

func distinctDomains(cmds []Command) []string {
	seen := make(map[string]struct{})
	var out []string
	for _, c := range cmds {
		if _, ok := seen[c.Domain]; !ok {
			seen[c.Domain] = struct{}{}
			out = append(out, c.Domain)
		}
	}
	return out
}

func mustDetail(v map[string]interface{}) json.RawMessage {
	b, err := json.Marshal(v)
	if err != nil {
		return json.RawMessage(`{}`)
	}
	return b
}

// Package process implements the saga runner (C9): a ProcessManager
// capability interface describing one saga's steps, a Runner that starts a
// saga by sending its first command, and a ReplyRouter — a worker-shaped
// loop over a reply queue — that advances sagas as replies arrive and drives
// compensation on business failure.
package process

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/getsentry/sentry-go"
	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/FreeSideNomad/rcmd-sub001/internal/bus"
	"github.com/FreeSideNomad/rcmd-sub001/internal/queue"
)

// Status is a saga's lifecycle state.
type Status string

const (
	StatusPending         Status = "PENDING"
	StatusInProgress      Status = "IN_PROGRESS"
	StatusWaitingForReply Status = "WAITING_FOR_REPLY"
	StatusCompleted       Status = "COMPLETED"
	StatusCanceled        Status = "CANCELED"
	StatusCompensated     Status = "COMPENSATED"
	StatusWaitingForTSQ   Status = "WAITING_FOR_TSQ"
)

// Outcome is the result carried by a Reply.
type Outcome string

const (
	OutcomeSuccess  Outcome = "SUCCESS"
	OutcomeFailed   Outcome = "FAILED"
	OutcomeCanceled Outcome = "CANCELED"
)

// Step identifies one point in a saga. Concrete managers define their own
// step constants (a tagged enum in spirit); the router treats it opaquely.
type Step string

// Reply is the envelope a command's worker publishes to reply_to, decoded
// off the reply queue. Both "data" and "result" are accepted on ingest per
// spec; "data" is canonical and is what gets re-serialized into this type.
type Reply struct {
	CommandID     string          `json:"command_id"`
	CorrelationID string          `json:"correlation_id"`
	Outcome       Outcome         `json:"outcome"`
	Data          json.RawMessage `json:"data,omitempty"`
	Result        json.RawMessage `json:"result,omitempty"`
	ErrorCode     string          `json:"error_code,omitempty"`
	ErrorMessage  string          `json:"error_message,omitempty"`
}

// Payload normalises the data/result alias, returning whichever was set.
func (r Reply) Payload() json.RawMessage {
	if len(r.Data) > 0 {
		return r.Data
	}
	return r.Result
}

// StepCommand is what a Manager returns to describe the next command to
// send for a step.
type StepCommand struct {
	Step        Step
	CommandType string
	Payload     json.RawMessage
}

// Manager is the process-manager capability set a concrete saga implements.
// Implementations are expected to be stateless; all saga state lives in the
// opaque State JSON persisted between steps.
type Manager interface {
	ProcessType() string
	Domain() string

	// FirstStep derives the initial command from the saga's initial state.
	FirstStep(state json.RawMessage) StepCommand

	// UpdateState mutates state in light of a reply to step, returning the
	// new state.
	UpdateState(state json.RawMessage, step Step, reply Reply) json.RawMessage

	// NextStep derives the next command given the step just replied to and
	// the (already updated) state. ok=false means the saga is terminal.
	NextStep(currentStep Step, reply Reply, state json.RawMessage) (cmd StepCommand, ok bool)

	// CompensationStep returns the compensating command for a step that had
	// already completed when a later step failed. ok=false means the step
	// has no compensation.
	CompensationStep(step Step, state json.RawMessage) (cmd StepCommand, ok bool)
}

// Metadata is the persisted `commandbus.process` row.
type Metadata struct {
	Domain        string
	ProcessID     string
	ProcessType   string
	Status        Status
	CurrentStep   Step
	State         json.RawMessage
	ErrorCode     sql.NullString
	ErrorMessage  sql.NullString
	CompletedSteps []Step
	CreatedAt     time.Time
	UpdatedAt     time.Time
}

// AuditEntry is one `commandbus.process_audit` row: one per step sent.
type AuditEntry struct {
	ProcessID    string
	StepName     Step
	CommandID    string
	CommandType  string
	CommandData  json.RawMessage
	SentAt       time.Time
	ReplyOutcome sql.NullString
	ReplyData    json.RawMessage
	ReceivedAt   sql.NullTime
}

// Store persists process and process_audit rows.
type Store struct {
	db *sql.DB
}

// NewStore builds a Store over an already-open pool.
func NewStore(db *sql.DB) *Store {
	return &Store{db: db}
}

func (s *Store) insert(ctx context.Context, tx *sql.Tx, m *Metadata) error {
	completed, _ := json.Marshal(m.CompletedSteps)
	_, err := tx.ExecContext(ctx, `
		INSERT INTO commandbus.process
			(domain, process_id, process_type, status, current_step, state, completed_steps, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, now(), now())
	`, m.Domain, m.ProcessID, m.ProcessType, m.Status, string(m.CurrentStep), []byte(m.State), completed)
	if err != nil {
		return fmt.Errorf("process: insert %s/%s: %w", m.Domain, m.ProcessID, err)
	}
	return nil
}

// Get loads a process by (domain, process_id).
func (s *Store) Get(ctx context.Context, domain, processID string) (*Metadata, error) {
	var m Metadata
	var step string
	var state, completed []byte
	err := s.db.QueryRowContext(ctx, `
		SELECT domain, process_id, process_type, status, current_step, state, completed_steps,
		       error_code, error_message, created_at, updated_at
		FROM commandbus.process WHERE domain = $1 AND process_id = $2
	`, domain, processID).Scan(
		&m.Domain, &m.ProcessID, &m.ProcessType, &m.Status, &step, &state, &completed,
		&m.ErrorCode, &m.ErrorMessage, &m.CreatedAt, &m.UpdatedAt,
	)
	if err != nil {
		return nil, fmt.Errorf("process: get %s/%s: %w", domain, processID, err)
	}
	m.CurrentStep = Step(step)
	m.State = state
	_ = json.Unmarshal(completed, &m.CompletedSteps)
	return &m, nil
}

func (s *Store) update(ctx context.Context, tx *sql.Tx, m *Metadata) error {
	completed, _ := json.Marshal(m.CompletedSteps)
	_, err := tx.ExecContext(ctx, `
		UPDATE commandbus.process
		SET status = $1, current_step = $2, state = $3, completed_steps = $4,
		    error_code = $5, error_message = $6, updated_at = now()
		WHERE domain = $7 AND process_id = $8
	`, m.Status, string(m.CurrentStep), []byte(m.State), completed, m.ErrorCode, m.ErrorMessage, m.Domain, m.ProcessID)
	if err != nil {
		return fmt.Errorf("process: update %s/%s: %w", m.Domain, m.ProcessID, err)
	}
	return nil
}

func (s *Store) appendAudit(ctx context.Context, tx *sql.Tx, e AuditEntry) error {
	_, err := tx.ExecContext(ctx, `
		INSERT INTO commandbus.process_audit
			(process_id, step_name, command_id, command_type, command_data, sent_at)
		VALUES ($1, $2, $3, $4, $5, now())
	`, e.ProcessID, string(e.StepName), e.CommandID, e.CommandType, []byte(e.CommandData))
	if err != nil {
		return fmt.Errorf("process: append_audit %s/%s: %w", e.ProcessID, e.StepName, err)
	}
	return nil
}

func (s *Store) recordReply(ctx context.Context, tx *sql.Tx, processID string, step Step, outcome Outcome, data json.RawMessage) error {
	_, err := tx.ExecContext(ctx, `
		UPDATE commandbus.process_audit
		SET reply_outcome = $1, reply_data = $2, received_at = now()
		WHERE process_id = $3 AND step_name = $4 AND received_at IS NULL
	`, outcome, []byte(data), processID, string(step))
	if err != nil {
		return fmt.Errorf("process: record_reply %s/%s: %w", processID, step, err)
	}
	return nil
}

// Runner starts sagas and advances them in response to replies.
type Runner struct {
	store    *Store
	bus      *bus.Bus
	db       *sql.DB
	managers map[string]Manager // process_type -> manager
	replyTo  string             // reply queue domain this runner's router listens on
}

// NewRunner builds a Runner. replyTo is the domain name of the reply queue
// this runner's router listens on. It is not attached to the commands that
// sendStep sends (bus.Command carries no reply address), and no package in
// this module publishes replies onto that queue.
func NewRunner(store *Store, b *bus.Bus, db *sql.DB, replyTo string) *Runner {
	return &Runner{store: store, bus: b, db: db, managers: make(map[string]Manager), replyTo: replyTo}
}

// Register binds a Manager for its ProcessType so the reply router can
// dispatch replies to it.
func (r *Runner) Register(m Manager) {
	r.managers[m.ProcessType()] = m
}

// Start begins a new saga: persists initial metadata, derives the first
// step from initialState, and sends its command with correlation_id=process_id.
func (r *Runner) Start(ctx context.Context, m Manager, initialState json.RawMessage) (string, error) {
	span := sentry.StartSpan(ctx, "process.start")
	defer span.Finish()

	processID := uuid.New().String()
	first := m.FirstStep(initialState)

	meta := &Metadata{
		Domain:      m.Domain(),
		ProcessID:   processID,
		ProcessType: m.ProcessType(),
		Status:      StatusPending,
		CurrentStep: first.Step,
		State:       initialState,
	}

	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return "", fmt.Errorf("process: start: begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if err := r.store.insert(ctx, tx, meta); err != nil {
		return "", err
	}

	commandID, err := r.sendStep(ctx, tx, m.Domain(), processID, first)
	if err != nil {
		return "", err
	}

	meta.Status = StatusWaitingForReply
	if err := r.store.update(ctx, tx, meta); err != nil {
		return "", err
	}

	if err := tx.Commit(); err != nil {
		return "", fmt.Errorf("process: start: commit: %w", err)
	}

	log.Info().Str("process_id", processID).Str("process_type", m.ProcessType()).Str("command_id", commandID).
		Msg("saga started")
	return processID, nil
}

func (r *Runner) sendStep(ctx context.Context, tx *sql.Tx, domain, processID string, step StepCommand) (string, error) {
	commandID := uuid.New().String()

	// bus.Bus.Send opens its own transaction; the process row and the first
	// command's enqueue are not atomic with each other, only the
	// command-row+enqueue+audit triple inside Send is. The process row's
	// own insert/update stays atomic with appendAudit below, inside tx.
	if _, err := r.bus.Send(ctx, bus.Command{
		Domain:        domain,
		CommandID:     commandID,
		CommandType:   step.CommandType,
		CorrelationID: processID,
		ProcessID:     processID,
		Payload:       step.Payload,
	}); err != nil {
		return "", fmt.Errorf("process: send step %s: %w", step.Step, err)
	}

	if err := r.store.appendAudit(ctx, tx, AuditEntry{
		ProcessID: processID, StepName: step.Step, CommandID: commandID,
		CommandType: step.CommandType, CommandData: step.Payload,
	}); err != nil {
		return "", err
	}

	return commandID, nil
}

// ReplyRouter is a worker-shaped component over the reply queue: for each
// reply it resolves the owning saga by correlation_id and dispatches to the
// matching Manager's reply handling.
type ReplyRouter struct {
	runner *Runner
	queue  *queue.Queue
	domain string // reply queue domain name
}

// NewReplyRouter builds a router polling replyDomain's queue.
func NewReplyRouter(runner *Runner, q *queue.Queue, replyDomain string) *ReplyRouter {
	return &ReplyRouter{runner: runner, queue: q, domain: replyDomain}
}

// Run polls the reply queue until ctx is cancelled, processing one batch at
// a time. Intended to be run in its own goroutine by cmd/worker.
func (rr *ReplyRouter) Run(ctx context.Context) {
	ticker := time.NewTicker(1 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			rr.pollOnce(ctx)
		}
	}
}

func (rr *ReplyRouter) pollOnce(ctx context.Context) {
	messages, err := rr.queue.Read(ctx, rr.domain, 30, 16)
	if err != nil {
		if err != queue.ErrPoolSaturated {
			log.Error().Err(err).Str("reply_domain", rr.domain).Msg("failed to read reply queue")
		}
		return
	}
	for _, m := range messages {
		rr.handle(ctx, m)
	}
}

func (rr *ReplyRouter) handle(ctx context.Context, m queue.Message) {
	var reply Reply
	if err := json.Unmarshal(m.Payload, &reply); err != nil {
		log.Warn().Err(err).Int64("msg_id", m.MsgID).Msg("malformed reply, discarding")
		_ = rr.queue.Execute(ctx, func(tx *sql.Tx) error { return rr.queue.Delete(ctx, tx, rr.domain, m.MsgID) })
		return
	}

	meta, err := rr.runner.store.Get(ctx, rr.lookupDomain(reply), reply.CorrelationID)
	if err != nil {
		log.Info().Str("correlation_id", reply.CorrelationID).Msg("reply for unknown process, discarding")
		_ = rr.queue.Execute(ctx, func(tx *sql.Tx) error { return rr.queue.Delete(ctx, tx, rr.domain, m.MsgID) })
		return
	}

	manager, ok := rr.runner.managers[meta.ProcessType]
	if !ok {
		log.Warn().Str("process_type", meta.ProcessType).Msg("reply for unregistered process type, discarding")
		_ = rr.queue.Execute(ctx, func(tx *sql.Tx) error { return rr.queue.Delete(ctx, tx, rr.domain, m.MsgID) })
		return
	}

	if err := rr.advance(ctx, manager, meta, reply, m.MsgID); err != nil {
		log.Error().Err(err).Str("process_id", meta.ProcessID).Msg("failed to advance saga on reply")
	}
}

// lookupDomain recovers the saga's domain. Replies don't carry it directly,
// so process lookups in this simplified router assume one runner serves one
// saga domain; a multi-domain deployment runs one ReplyRouter per domain.
func (rr *ReplyRouter) lookupDomain(reply Reply) string {
	for _, m := range rr.runner.managers {
		return m.Domain()
	}
	return ""
}

func (rr *ReplyRouter) advance(ctx context.Context, manager Manager, meta *Metadata, reply Reply, msgID int64) error {
	tx, err := rr.runner.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("process: advance: begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if err := rr.runner.store.recordReply(ctx, tx, meta.ProcessID, meta.CurrentStep, reply.Outcome, reply.Payload()); err != nil {
		return err
	}

	switch reply.Outcome {
	case OutcomeSuccess:
		meta.State = manager.UpdateState(meta.State, meta.CurrentStep, reply)
		meta.CompletedSteps = append(meta.CompletedSteps, meta.CurrentStep)

		next, ok := manager.NextStep(meta.CurrentStep, reply, meta.State)
		if ok {
			if _, err := rr.runner.sendStep(ctx, tx, manager.Domain(), meta.ProcessID, next); err != nil {
				return err
			}
			meta.CurrentStep = next.Step
			meta.Status = StatusWaitingForReply
		} else {
			meta.Status = StatusCompleted
		}

	case OutcomeFailed:
		if err := rr.compensate(ctx, tx, manager, meta); err != nil {
			return err
		}
		meta.Status = StatusCanceled
		meta.ErrorCode = sql.NullString{String: reply.ErrorCode, Valid: reply.ErrorCode != ""}
		meta.ErrorMessage = sql.NullString{String: reply.ErrorMessage, Valid: reply.ErrorMessage != ""}

	case OutcomeCanceled:
		if err := rr.compensate(ctx, tx, manager, meta); err != nil {
			return err
		}
		meta.Status = StatusCompensated
	}

	if err := rr.runner.store.update(ctx, tx, meta); err != nil {
		return err
	}
	if err := rr.queue.Delete(ctx, tx, rr.domain, msgID); err != nil {
		return err
	}

	return tx.Commit()
}

// compensate walks completed steps in reverse, sending each one's
// compensation command fire-and-forget (no reply is awaited for
// compensation under this design).
func (rr *ReplyRouter) compensate(ctx context.Context, tx *sql.Tx, manager Manager, meta *Metadata) error {
	for i := len(meta.CompletedSteps) - 1; i >= 0; i-- {
		step := meta.CompletedSteps[i]
		comp, ok := manager.CompensationStep(step, meta.State)
		if !ok {
			continue
		}
		if _, err := rr.runner.sendStep(ctx, tx, manager.Domain(), meta.ProcessID, comp); err != nil {
			return fmt.Errorf("process: compensate step %s: %w", step, err)
		}
	}
	return nil
}

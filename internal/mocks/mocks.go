// Package mocks holds hand-rolled in-memory fakes for the command bus's
// small interfaces — the places a real dependency (a registered handler, the
// troubleshooting-queue enroller, a saga manager, a NOTIFY waker) is swapped
// for a scriptable stand-in in worker and process-manager tests. Tests
// against *repository.Repository/*queue.Queue themselves use go-sqlmock
// instead, since those are concrete types over a *sql.DB.
package mocks

import (
	"context"
	"database/sql"
	"encoding/json"
	"sync"

	"github.com/FreeSideNomad/rcmd-sub001/internal/process"
)

// Handler is a scriptable registry.Handler. Set Fn to control the outcome;
// each invocation is recorded in Calls for assertions.
type Handler struct {
	mu    sync.Mutex
	Fn    func(ctx context.Context, payload json.RawMessage) (json.RawMessage, error)
	Calls []json.RawMessage
}

// Handle records the call and delegates to Fn, defaulting to an empty
// success result when Fn is nil.
func (h *Handler) Handle(ctx context.Context, payload json.RawMessage) (json.RawMessage, error) {
	h.mu.Lock()
	h.Calls = append(h.Calls, payload)
	h.mu.Unlock()

	if h.Fn == nil {
		return json.RawMessage(`{}`), nil
	}
	return h.Fn(ctx, payload)
}

// CallCount returns how many times Handle has been invoked.
func (h *Handler) CallCount() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.Calls)
}

// TroubleshootingEnqueuer is a scriptable worker.TroubleshootingEnqueuer. It
// records every enrollment so a test can assert a permanent failure reached
// the troubleshooting queue without wiring a real *tsq.Queue.
type TroubleshootingEnqueuer struct {
	mu        sync.Mutex
	Enrolled  []Enrollment
	Err       error
}

// Enrollment captures one Enroll call's arguments.
type Enrollment struct {
	Domain    string
	CommandID string
	LastErr   error
}

// Enroll records the enrollment and returns e.Err (nil by default).
func (e *TroubleshootingEnqueuer) Enroll(ctx context.Context, tx *sql.Tx, domain, commandID string, lastErr error) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.Enrolled = append(e.Enrolled, Enrollment{Domain: domain, CommandID: commandID, LastErr: lastErr})
	return e.Err
}

// Count returns how many commands have been enrolled.
func (e *TroubleshootingEnqueuer) Count() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.Enrolled)
}

// Waker is a scriptable notifications.Waker: it counts wakeups instead of
// driving a real worker pool, so notification-fan-out tests don't need a
// full Pool.
type Waker struct {
	mu     sync.Mutex
	Woken  int
}

// NotifyNewCommands increments Woken.
func (w *Waker) NotifyNewCommands() {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.Woken++
}

// Count returns how many times NotifyNewCommands has been called.
func (w *Waker) Count() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.Woken
}

// ProcessManager is a scriptable process.Manager for saga-runner tests: each
// field is a closure a test sets to control that step's behaviour, with
// sensible zero-value defaults (first step "start", no next step, no
// compensation) so a test only overrides what it cares about.
type ProcessManager struct {
	Type            string
	DomainName      string
	FirstStepFn     func(state json.RawMessage) process.StepCommand
	UpdateStateFn   func(state json.RawMessage, step process.Step, reply process.Reply) json.RawMessage
	NextStepFn      func(currentStep process.Step, reply process.Reply, state json.RawMessage) (process.StepCommand, bool)
	CompensationFn  func(step process.Step, state json.RawMessage) (process.StepCommand, bool)
}

// ProcessType returns m.Type.
func (m *ProcessManager) ProcessType() string { return m.Type }

// Domain returns m.DomainName.
func (m *ProcessManager) Domain() string { return m.DomainName }

// FirstStep delegates to FirstStepFn.
func (m *ProcessManager) FirstStep(state json.RawMessage) process.StepCommand {
	if m.FirstStepFn == nil {
		return process.StepCommand{Step: "start", CommandType: "start", Payload: state}
	}
	return m.FirstStepFn(state)
}

// UpdateState delegates to UpdateStateFn, defaulting to passing state through
// unchanged.
func (m *ProcessManager) UpdateState(state json.RawMessage, step process.Step, reply process.Reply) json.RawMessage {
	if m.UpdateStateFn == nil {
		return state
	}
	return m.UpdateStateFn(state, step, reply)
}

// NextStep delegates to NextStepFn, defaulting to "no further steps".
func (m *ProcessManager) NextStep(currentStep process.Step, reply process.Reply, state json.RawMessage) (process.StepCommand, bool) {
	if m.NextStepFn == nil {
		return process.StepCommand{}, false
	}
	return m.NextStepFn(currentStep, reply, state)
}

// CompensationStep delegates to CompensationFn, defaulting to "no
// compensation for this step".
func (m *ProcessManager) CompensationStep(step process.Step, state json.RawMessage) (process.StepCommand, bool) {
	if m.CompensationFn == nil {
		return process.StepCommand{}, false
	}
	return m.CompensationFn(step, state)
}

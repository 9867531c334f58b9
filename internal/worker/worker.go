// Package worker runs the command bus's consumer side: one pool per
// registered domain, each polling its queue table, dispatching claimed
// messages to registered handlers with bounded concurrency, extending
// visibility for long-running handlers, and routing outcomes to retry,
// terminal-failure or the troubleshooting queue.
package worker

import (
	"context"
	"database/sql"
	"encoding/json"
	"math/rand"
	"sync"
	"time"

	"github.com/getsentry/sentry-go"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/singleflight"
	"golang.org/x/time/rate"

	"github.com/FreeSideNomad/rcmd-sub001/internal/audit"
	"github.com/FreeSideNomad/rcmd-sub001/internal/commanderrors"
	"github.com/FreeSideNomad/rcmd-sub001/internal/config"
	"github.com/FreeSideNomad/rcmd-sub001/internal/observability"
	"github.com/FreeSideNomad/rcmd-sub001/internal/queue"
	"github.com/FreeSideNomad/rcmd-sub001/internal/registry"
	"github.com/FreeSideNomad/rcmd-sub001/internal/repository"
	"github.com/FreeSideNomad/rcmd-sub001/internal/retry"
)

// Config tunes one domain's worker pool.
type Config struct {
	Domain            string
	Concurrency       int           // max in-flight handler invocations
	BatchSize         int           // messages claimed per Read
	VisibilityTimeout time.Duration // initial claim VT
	WatchdogInterval  time.Duration // how often to extend VT for in-flight messages
	PollInterval      time.Duration // fallback poll cadence when idle
	StuckThreadBuffer time.Duration // grace period past VisibilityTimeout before reaping a stuck IN_PROGRESS row
	RetryPolicy       retry.Policy
	Limiter           *rate.Limiter // optional per-domain dispatch throttle
}

// DefaultConfig fills in sane defaults for unset fields.
func DefaultConfig(domain string) Config {
	return Config{
		Domain:            domain,
		Concurrency:       8,
		BatchSize:         8,
		VisibilityTimeout: 30 * time.Second,
		WatchdogInterval:  10 * time.Second,
		PollInterval:      1 * time.Second,
		StuckThreadBuffer: 15 * time.Second,
		RetryPolicy:       retry.DefaultPolicy(),
	}
}

// FromWorkerConfig adapts a validated config.WorkerConfig (the env-overlaid,
// invariant-checked form cmd/worker builds) into the worker package's own
// Config, wiring the optional dispatch-rate limiter.
func FromWorkerConfig(wc config.WorkerConfig) Config {
	return Config{
		Domain:            wc.Domain,
		Concurrency:       wc.Concurrency,
		BatchSize:         wc.BatchSize,
		VisibilityTimeout: wc.VisibilityTimeout,
		WatchdogInterval:  wc.WatchdogInterval,
		PollInterval:      wc.PollInterval,
		StuckThreadBuffer: wc.StuckThreadBuffer,
		RetryPolicy:       retry.Policy{MaxAttempts: wc.MaxAttempts, Schedule: retry.DefaultPolicy().Schedule},
		Limiter:           wc.Limiter(),
	}
}

// Pool runs one domain's worker loop.
type Pool struct {
	cfg      Config
	queue    *queue.Queue
	repo     *repository.Repository
	audit    *audit.Logger
	registry *registry.Registry
	tsq      TroubleshootingEnqueuer

	sem        chan struct{}
	wg         sync.WaitGroup
	group      *errgroup.Group
	groupCtx   context.Context
	stopCh     chan struct{}
	notifyCh   chan struct{}
	claimFlight singleflight.Group
}

// TroubleshootingEnqueuer is the subset of the troubleshooting-queue package
// the worker needs: moving a terminally-failed command into it.
type TroubleshootingEnqueuer interface {
	Enroll(ctx context.Context, tx *sql.Tx, domain, commandID string, lastErr error) error
}

// New builds a worker pool for one domain.
func New(cfg Config, q *queue.Queue, repo *repository.Repository, auditLog *audit.Logger, reg *registry.Registry, tsq TroubleshootingEnqueuer) *Pool {
	return &Pool{
		cfg:      cfg,
		queue:    q,
		repo:     repo,
		audit:    auditLog,
		registry: reg,
		tsq:      tsq,
		sem:      make(chan struct{}, cfg.Concurrency),
		stopCh:   make(chan struct{}),
		notifyCh: make(chan struct{}, 1),
	}
}

// NotifyNewCommands wakes the poll loop immediately; called by the LISTEN
// fast path in internal/notifications when a NOTIFY lands on this domain's
// channel. Bursts of notifications collapse to a single pending wakeup.
func (p *Pool) NotifyNewCommands() {
	select {
	case p.notifyCh <- struct{}{}:
	default:
	}
}

// Start runs the pool's poll loop until ctx is cancelled or Stop is called.
// In-flight dispatch goroutines are tracked through an errgroup so Stop can
// fan in their completion (and first error, if any) in one Wait.
func (p *Pool) Start(ctx context.Context) {
	log.Info().Str("domain", p.cfg.Domain).Int("concurrency", p.cfg.Concurrency).Msg("starting worker pool")
	observability.RecordPoolConcurrency(ctx, p.cfg.Domain, 0, int64(p.cfg.Concurrency))

	p.group, p.groupCtx = errgroup.WithContext(ctx)
	p.wg.Add(1)
	go func() {
		defer p.wg.Done()
		p.pollLoop(ctx)
	}()
}

// Stop signals the pool to exit and blocks until in-flight handlers finish.
func (p *Pool) Stop() {
	close(p.stopCh)
	p.wg.Wait()
	if p.group != nil {
		if err := p.group.Wait(); err != nil {
			log.Warn().Err(err).Str("domain", p.cfg.Domain).Msg("worker pool dispatch goroutine returned an error during shutdown")
		}
	}
}

func (p *Pool) pollLoop(ctx context.Context) {
	consecutiveEmpty := 0

	for {
		select {
		case <-p.stopCh:
			return
		case <-ctx.Done():
			return
		default:
		}

		claimed := p.claimAndDispatch(ctx)
		if claimed == 0 {
			consecutiveEmpty++
			sleepFor := backoffSleep(consecutiveEmpty, p.cfg.PollInterval, 5*time.Second)
			select {
			case <-time.After(sleepFor):
			case <-p.notifyCh:
				consecutiveEmpty = 0
			case <-p.stopCh:
				return
			case <-ctx.Done():
				return
			}
			continue
		}
		consecutiveEmpty = 0
	}
}

func backoffSleep(consecutiveEmpty int, base, max time.Duration) time.Duration {
	d := base * time.Duration(1<<uint(min(consecutiveEmpty, 5)))
	if d > max {
		d = max
	}
	jitter := time.Duration(rand.Int63n(int64(base)))
	return d + jitter
}

func min(a, b int) int {
	if a < b {
		return a
	}
	return b
}

// claimAndDispatch reads up to BatchSize messages and dispatches each to a
// bounded-concurrency goroutine, blocking until every claimed message has at
// least been handed off (not until handlers finish). Returns the number of
// messages claimed.
func (p *Pool) claimAndDispatch(ctx context.Context) int {
	if p.cfg.Limiter != nil {
		if err := p.cfg.Limiter.Wait(ctx); err != nil {
			return 0
		}
	}

	// singleflight collapses a burst of overlapping wakeups (a NOTIFY firing
	// while the previous claim is still draining its result) into one Read,
	// so concurrent callers never double-claim the same batch window.
	claimStart := time.Now()
	v, err, _ := p.claimFlight.Do(p.cfg.Domain, func() (interface{}, error) {
		return p.queue.Read(ctx, p.cfg.Domain, int(p.cfg.VisibilityTimeout.Seconds()), p.cfg.BatchSize)
	})
	if err != nil {
		if err != queue.ErrPoolSaturated {
			log.Error().Err(err).Str("domain", p.cfg.Domain).Msg("failed to read from queue")
			sentry.CaptureException(err)
			observability.RecordCommandClaimAttempt(ctx, p.cfg.Domain, time.Since(claimStart), "error")
		} else {
			observability.RecordCommandClaimAttempt(ctx, p.cfg.Domain, time.Since(claimStart), "saturated")
			observability.RecordDBPoolRejection(ctx)
		}
		return 0
	}
	observability.RecordCommandClaimAttempt(ctx, p.cfg.Domain, time.Since(claimStart), "ok")
	messages, _ := v.([]queue.Message)
	if len(messages) == 0 {
		return 0
	}

	for _, m := range messages {
		m := m
		select {
		case p.sem <- struct{}{}:
		case <-p.stopCh:
			return len(messages)
		case <-ctx.Done():
			return len(messages)
		}

		p.group.Go(func() error {
			observability.RecordPoolConcurrency(p.groupCtx, p.cfg.Domain, 1, 0)
			defer func() {
				<-p.sem
				observability.RecordPoolConcurrency(p.groupCtx, p.cfg.Domain, -1, 0)
			}()
			p.process(p.groupCtx, m)
			return nil
		})
	}

	return len(messages)
}

// process runs one claimed message's full pipeline: lookup command
// metadata, resolve handler, run with a watchdog extending visibility, and
// finalise status based on the outcome classification.
func (p *Pool) process(ctx context.Context, m queue.Message) {
	span := sentry.StartSpan(ctx, "worker.process")
	defer span.Finish()
	span.SetTag("domain", p.cfg.Domain)

	cmd, err := p.repo.Get(ctx, p.cfg.Domain, m.CommandID)
	if err != nil {
		log.Error().Err(err).Str("domain", p.cfg.Domain).Str("command_id", m.CommandID).
			Msg("claimed message has no command row, archiving orphan")
		_ = p.queue.Execute(ctx, func(tx *sql.Tx) error {
			return p.queue.Archive(ctx, tx, p.cfg.Domain, m.MsgID)
		})
		return
	}

	switch cmd.Status {
	case repository.StatusCompleted, repository.StatusCanceled, repository.StatusInTroubleshooting:
		log.Warn().Str("domain", p.cfg.Domain).Str("command_id", cmd.CommandID).Str("status", string(cmd.Status)).
			Msg("redelivered message for command already in a terminal status, archiving")
		_ = p.queue.Execute(ctx, func(tx *sql.Tx) error {
			return p.queue.Archive(ctx, tx, p.cfg.Domain, m.MsgID)
		})
		return
	}

	handler, err := p.registry.Lookup(p.cfg.Domain, cmd.CommandType)
	if err != nil {
		log.Error().Err(err).Str("domain", p.cfg.Domain).Str("command_type", cmd.CommandType).
			Msg("no handler registered for claimed command")
		p.finalizePermanent(ctx, m, cmd, err)
		observability.RecordCommandFailure(ctx, p.cfg.Domain, "handler_not_found")
		return
	}

	attempts, err := p.repo.IncrementAttempts(ctx, nil, p.cfg.Domain, cmd.CommandID)
	if err != nil {
		log.Error().Err(err).Str("domain", p.cfg.Domain).Str("command_id", cmd.CommandID).
			Msg("failed to increment attempts on claim")
		return
	}
	cmd.Attempts = attempts

	_ = p.audit.Log(ctx, nil, audit.Entry{Domain: p.cfg.Domain, CommandID: cmd.CommandID, CorrelationID: cmd.CorrelationID, EventType: audit.EventReceived, Detail: mustJSON(map[string]interface{}{"attempts": attempts})})
	_ = p.repo.UpdateStatus(ctx, nil, p.cfg.Domain, cmd.CommandID, repository.StatusInProgress)
	_ = p.audit.Log(ctx, nil, audit.Entry{Domain: p.cfg.Domain, CommandID: cmd.CommandID, CorrelationID: cmd.CorrelationID, EventType: audit.EventStarted})

	watchdogCtx, cancelWatchdog := context.WithCancel(ctx)
	defer cancelWatchdog()
	go p.watchdog(watchdogCtx, m)

	spanCtx, otelSpan := observability.StartCommandSpan(ctx, observability.CommandSpanInfo{
		Domain: p.cfg.Domain, CommandID: cmd.CommandID, CommandType: cmd.CommandType, CorrelationID: cmd.CorrelationID,
	})
	handlerStart := time.Now()
	result, handlerErr := handler.Handle(spanCtx, cmd.Payload)
	handlerDuration := time.Since(handlerStart)
	otelSpan.End()

	if handlerErr == nil {
		p.finalizeSuccess(ctx, m, cmd, result)
		observability.RecordCommand(ctx, observability.CommandMetrics{Domain: p.cfg.Domain, Status: "completed", Duration: handlerDuration})
		return
	}

	switch commanderrors.Classify(handlerErr) {
	case commanderrors.ClassBusiness:
		p.finalizeBusinessFailure(ctx, m, cmd, handlerErr)
		observability.RecordCommand(ctx, observability.CommandMetrics{Domain: p.cfg.Domain, Status: "business_failed", Duration: handlerDuration})
	case commanderrors.ClassPermanent:
		p.finalizePermanent(ctx, m, cmd, handlerErr)
		observability.RecordCommand(ctx, observability.CommandMetrics{Domain: p.cfg.Domain, Status: "permanent_failed", Duration: handlerDuration})
		observability.RecordCommandFailure(ctx, p.cfg.Domain, "permanent")
	default:
		p.finalizeTransient(ctx, m, cmd, handlerErr)
		observability.RecordCommand(ctx, observability.CommandMetrics{Domain: p.cfg.Domain, Status: "transient_retry", Duration: handlerDuration})
		observability.RecordCommandRetry(ctx, p.cfg.Domain, "transient_error")
	}
}

// watchdog periodically extends a claimed message's visibility timeout so a
// handler that legitimately runs long doesn't have its message reclaimed by
// another worker out from under it. Stops as soon as process cancels ctx.
func (p *Pool) watchdog(ctx context.Context, m queue.Message) {
	ticker := time.NewTicker(p.cfg.WatchdogInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := p.queue.SetVT(ctx, p.cfg.Domain, m.MsgID, int(p.cfg.VisibilityTimeout.Seconds())); err != nil {
				log.Warn().Err(err).Str("domain", p.cfg.Domain).Int64("msg_id", m.MsgID).
					Msg("watchdog failed to extend visibility timeout")
				return
			}
		}
	}
}

func (p *Pool) finalizeSuccess(ctx context.Context, m queue.Message, cmd *repository.Command, result []byte) {
	err := p.queue.Execute(ctx, func(tx *sql.Tx) error {
		if err := p.repo.UpdateStatus(ctx, tx, p.cfg.Domain, cmd.CommandID, repository.StatusCompleted); err != nil {
			return err
		}
		if err := p.audit.Log(ctx, tx, audit.Entry{
			Domain: p.cfg.Domain, CommandID: cmd.CommandID, CorrelationID: cmd.CorrelationID,
			EventType: audit.EventCompleted, Detail: result,
		}); err != nil {
			return err
		}
		return p.queue.Archive(ctx, tx, p.cfg.Domain, m.MsgID)
	})
	if err != nil {
		log.Error().Err(err).Str("domain", p.cfg.Domain).Str("command_id", cmd.CommandID).Msg("failed to finalize successful command")
		sentry.CaptureException(err)
	}
}

func (p *Pool) finalizeBusinessFailure(ctx context.Context, m queue.Message, cmd *repository.Command, handlerErr error) {
	err := p.queue.Execute(ctx, func(tx *sql.Tx) error {
		if err := p.repo.RecordError(ctx, tx, p.cfg.Domain, cmd.CommandID, repository.StatusFailed, "BUSINESS_RULE", handlerErr.Error()); err != nil {
			return err
		}
		if err := p.audit.Log(ctx, tx, audit.Entry{
			Domain: p.cfg.Domain, CommandID: cmd.CommandID, CorrelationID: cmd.CorrelationID,
			EventType: audit.EventFailed, Detail: mustJSON(map[string]string{"reason": handlerErr.Error()}),
		}); err != nil {
			return err
		}
		return p.queue.Archive(ctx, tx, p.cfg.Domain, m.MsgID)
	})
	if err != nil {
		log.Error().Err(err).Str("domain", p.cfg.Domain).Str("command_id", cmd.CommandID).Msg("failed to finalize business-rule failure")
	}
}

func (p *Pool) finalizePermanent(ctx context.Context, m queue.Message, cmd *repository.Command, handlerErr error) {
	err := p.queue.Execute(ctx, func(tx *sql.Tx) error {
		if err := p.repo.RecordError(ctx, tx, p.cfg.Domain, cmd.CommandID, repository.StatusInTroubleshooting, "PERMANENT", handlerErr.Error()); err != nil {
			return err
		}
		if err := p.audit.Log(ctx, tx, audit.Entry{
			Domain: p.cfg.Domain, CommandID: cmd.CommandID, CorrelationID: cmd.CorrelationID,
			EventType: audit.EventMovedToTSQ, Detail: mustJSON(map[string]string{"reason": handlerErr.Error()}),
		}); err != nil {
			return err
		}
		if p.tsq != nil {
			if err := p.tsq.Enroll(ctx, tx, p.cfg.Domain, cmd.CommandID, handlerErr); err != nil {
				return err
			}
		}
		return p.queue.Archive(ctx, tx, p.cfg.Domain, m.MsgID)
	})
	if err != nil {
		log.Error().Err(err).Str("domain", p.cfg.Domain).Str("command_id", cmd.CommandID).Msg("failed to finalize permanent failure")
		sentry.CaptureException(err)
	}
}

func (p *Pool) finalizeTransient(ctx context.Context, m queue.Message, cmd *repository.Command, handlerErr error) {
	attempts := cmd.Attempts

	if p.cfg.RetryPolicy.IsTerminal(attempts) {
		err := p.audit.Log(ctx, nil, audit.Entry{
			Domain: p.cfg.Domain, CommandID: cmd.CommandID, CorrelationID: cmd.CorrelationID,
			EventType: audit.EventRetryExhausted, Detail: mustJSON(map[string]interface{}{"attempts": attempts}),
		})
		if err != nil {
			log.Error().Err(err).Str("domain", p.cfg.Domain).Str("command_id", cmd.CommandID).Msg("failed to record retry exhaustion")
		}
		p.finalizePermanent(ctx, m, cmd, handlerErr)
		return
	}

	backoff := p.cfg.RetryPolicy.BackoffFor(attempts)
	err := p.queue.Execute(ctx, func(tx *sql.Tx) error {
		if err := p.repo.RecordError(ctx, tx, p.cfg.Domain, cmd.CommandID, repository.StatusPending, commanderrors.AsTransient(handlerErr).Code, handlerErr.Error()); err != nil {
			return err
		}
		if err := p.audit.Log(ctx, tx, audit.Entry{
			Domain: p.cfg.Domain, CommandID: cmd.CommandID, CorrelationID: cmd.CorrelationID,
			EventType: audit.EventRetryScheduled, Detail: mustJSON(map[string]interface{}{"backoff_seconds": backoff, "next_attempt": attempts + 1}),
		}); err != nil {
			return err
		}
		return nil
	})
	if err != nil {
		log.Error().Err(err).Str("domain", p.cfg.Domain).Str("command_id", cmd.CommandID).Msg("failed to record retry")
		return
	}

	if err := p.queue.SetVT(ctx, p.cfg.Domain, m.MsgID, backoff); err != nil {
		log.Error().Err(err).Str("domain", p.cfg.Domain).Int64("msg_id", m.MsgID).Msg("failed to reschedule retry visibility")
	}
}

// RunReaper periodically reconciles commands stuck in IN_PROGRESS — rows
// whose worker died between claiming and finishing, without ever extending
// or losing the queue message's own visibility — back to PENDING so another
// worker picks them up. Intended to run in its own goroutine alongside Start.
func (p *Pool) RunReaper(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-p.stopCh:
			return
		case <-ticker.C:
			if err := p.ReconcileStuckCommands(ctx); err != nil {
				log.Error().Err(err).Str("domain", p.cfg.Domain).Msg("failed to reconcile stuck commands")
			}
		}
	}
}

// ReconcileStuckCommands resets every IN_PROGRESS command older than
// VisibilityTimeout+StuckThreadBuffer back to PENDING, recording a
// RETRY_SCHEDULED audit entry for each.
func (p *Pool) ReconcileStuckCommands(ctx context.Context) error {
	threshold := time.Now().Add(-(p.cfg.VisibilityTimeout + p.cfg.StuckThreadBuffer))

	stuck, err := p.repo.FindStuckInProgress(ctx, p.cfg.Domain, threshold)
	if err != nil {
		return err
	}
	if len(stuck) == 0 {
		return nil
	}

	for _, cmd := range stuck {
		err := p.queue.Execute(ctx, func(tx *sql.Tx) error {
			if err := p.repo.UpdateStatus(ctx, tx, p.cfg.Domain, cmd.CommandID, repository.StatusPending); err != nil {
				return err
			}
			return p.audit.Log(ctx, tx, audit.Entry{
				Domain: p.cfg.Domain, CommandID: cmd.CommandID, CorrelationID: cmd.CorrelationID,
				EventType: audit.EventRetryScheduled, Detail: mustJSON(map[string]interface{}{"reason": "stuck_in_progress"}),
			})
		})
		if err != nil {
			log.Error().Err(err).Str("domain", p.cfg.Domain).Str("command_id", cmd.CommandID).
				Msg("failed to reset stuck command to pending")
			continue
		}
		observability.RecordCommandRetry(ctx, p.cfg.Domain, "stuck_in_progress")
		log.Warn().Str("domain", p.cfg.Domain).Str("command_id", cmd.CommandID).
			Msg("reset stuck in-progress command to pending")
	}

	p.NotifyNewCommands()
	return nil
}

func mustJSON(v map[string]interface{}) []byte {
	b, err := json.Marshal(v)
	if err != nil {
		return []byte("{}")
	}
	return b
}

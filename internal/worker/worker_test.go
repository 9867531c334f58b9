package worker

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/FreeSideNomad/rcmd-sub001/internal/audit"
	"github.com/FreeSideNomad/rcmd-sub001/internal/commanderrors"
	"github.com/FreeSideNomad/rcmd-sub001/internal/dbconn"
	"github.com/FreeSideNomad/rcmd-sub001/internal/mocks"
	"github.com/FreeSideNomad/rcmd-sub001/internal/queue"
	"github.com/FreeSideNomad/rcmd-sub001/internal/registry"
	"github.com/FreeSideNomad/rcmd-sub001/internal/repository"
)

func TestDefaultConfigIsSane(t *testing.T) {
	cfg := DefaultConfig("payments")
	assert.Equal(t, "payments", cfg.Domain)
	assert.Equal(t, 8, cfg.Concurrency)
	assert.Less(t, cfg.WatchdogInterval, cfg.VisibilityTimeout)
}

func TestBackoffSleepGrowsThenClamps(t *testing.T) {
	small := backoffSleep(1, time.Second, 5*time.Second)
	large := backoffSleep(10, time.Second, 5*time.Second)
	assert.LessOrEqual(t, small, 7*time.Second)
	assert.LessOrEqual(t, large, 6*time.Second)
}

func TestMinHelper(t *testing.T) {
	assert.Equal(t, 2, min(2, 5))
	assert.Equal(t, 3, min(9, 3))
}

func newPool(t *testing.T, cfg Config, reg *registry.Registry, tsq TroubleshootingEnqueuer) (*Pool, sqlmock.Sqlmock) {
	t.Helper()
	sqlDB, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { sqlDB.Close() })

	db := &dbconn.DB{Client: sqlDB, Config: &dbconn.Config{MaxOpenConns: 10}}
	q := queue.New(db)
	repo := repository.New(sqlDB)
	auditLog := audit.New(sqlDB)
	return New(cfg, q, repo, auditLog, reg, tsq), mock
}

func commandRows() *sqlmock.Rows {
	now := time.Now()
	return sqlmock.NewRows([]string{
		"domain", "command_id", "command_type", "correlation_id", "process_id",
		"payload", "status", "attempts", "max_attempts", "msg_id", "last_error", "last_error_code",
		"notify_tsq_failure", "created_at", "updated_at",
	}).AddRow("payments", "c-1", "charge", "c-1", "", []byte(`{}`), repository.StatusPending, 0, 3, nil, nil, nil, false, now, now)
}

func TestProcessFinalizesSuccess(t *testing.T) {
	reg := registry.New()
	h := &mocks.Handler{Fn: func(ctx context.Context, payload json.RawMessage) (json.RawMessage, error) { return json.RawMessage(`{"ok":true}`), nil }}
	require.NoError(t, reg.Register("payments", "charge", h))

	cfg := DefaultConfig("payments")
	p, mock := newPool(t, cfg, reg, &mocks.TroubleshootingEnqueuer{})

	mock.ExpectQuery("FROM commandbus.command WHERE domain").WithArgs("payments", "c-1").WillReturnRows(commandRows())
	mock.ExpectQuery("UPDATE commandbus.command SET attempts").WithArgs("payments", "c-1").
		WillReturnRows(sqlmock.NewRows([]string{"attempts"}).AddRow(1))
	mock.ExpectExec("INSERT INTO commandbus.audit_log").WillReturnResult(sqlmock.NewResult(1, 1))
	mock.ExpectExec("UPDATE commandbus.command SET status").WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec("INSERT INTO commandbus.audit_log").WillReturnResult(sqlmock.NewResult(1, 1))
	mock.ExpectBegin()
	mock.ExpectExec("UPDATE commandbus.command SET status").WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec("INSERT INTO commandbus.audit_log").WillReturnResult(sqlmock.NewResult(1, 1))
	mock.ExpectExec("INSERT INTO commandbus.q_payments_archive").WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	p.process(context.Background(), queue.Message{MsgID: 1, CommandID: "c-1", Domain: "payments", Payload: []byte(`{}`)})

	assert.Equal(t, 1, h.CallCount())
}

func TestProcessArchivesRedeliveredTerminalCommandWithoutDispatching(t *testing.T) {
	reg := registry.New()
	h := &mocks.Handler{Fn: func(ctx context.Context, payload json.RawMessage) (json.RawMessage, error) { return json.RawMessage(`{}`), nil }}
	require.NoError(t, reg.Register("payments", "charge", h))

	cfg := DefaultConfig("payments")
	p, mock := newPool(t, cfg, reg, &mocks.TroubleshootingEnqueuer{})

	now := time.Now()
	rows := sqlmock.NewRows([]string{
		"domain", "command_id", "command_type", "correlation_id", "process_id",
		"payload", "status", "attempts", "max_attempts", "msg_id", "last_error", "last_error_code",
		"notify_tsq_failure", "created_at", "updated_at",
	}).AddRow("payments", "c-1", "charge", "c-1", "", []byte(`{}`), repository.StatusCompleted, 1, 3, nil, nil, nil, false, now, now)

	mock.ExpectQuery("FROM commandbus.command WHERE domain").WithArgs("payments", "c-1").WillReturnRows(rows)
	mock.ExpectBegin()
	mock.ExpectExec("INSERT INTO commandbus.q_payments_archive").WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	p.process(context.Background(), queue.Message{MsgID: 1, CommandID: "c-1", Domain: "payments", Payload: []byte(`{}`)})

	assert.Equal(t, 0, h.CallCount())
}

func TestProcessEnrollsInTroubleshootingQueueOnPermanentError(t *testing.T) {
	reg := registry.New()
	permErr := &commanderrors.PermanentError{Code: "BAD_INPUT", Message: "nope"}
	h := &mocks.Handler{Fn: func(ctx context.Context, payload json.RawMessage) (json.RawMessage, error) { return nil, permErr }}
	require.NoError(t, reg.Register("payments", "charge", h))

	tsq := &mocks.TroubleshootingEnqueuer{}
	cfg := DefaultConfig("payments")
	p, mock := newPool(t, cfg, reg, tsq)

	mock.ExpectQuery("FROM commandbus.command WHERE domain").WithArgs("payments", "c-1").WillReturnRows(commandRows())
	mock.ExpectQuery("UPDATE commandbus.command SET attempts").WithArgs("payments", "c-1").
		WillReturnRows(sqlmock.NewRows([]string{"attempts"}).AddRow(1))
	mock.ExpectExec("INSERT INTO commandbus.audit_log").WillReturnResult(sqlmock.NewResult(1, 1))
	mock.ExpectExec("UPDATE commandbus.command SET status").WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec("INSERT INTO commandbus.audit_log").WillReturnResult(sqlmock.NewResult(1, 1))
	mock.ExpectBegin()
	mock.ExpectExec("UPDATE commandbus.command").WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec("INSERT INTO commandbus.audit_log").WillReturnResult(sqlmock.NewResult(1, 1))
	mock.ExpectExec("INSERT INTO commandbus.q_payments_archive").WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	p.process(context.Background(), queue.Message{MsgID: 1, CommandID: "c-1", Domain: "payments", Payload: []byte(`{}`)})

	assert.Equal(t, 1, tsq.Count())
}

func TestProcessRecordsRetryExhaustedBeforeMovingToTSQ(t *testing.T) {
	reg := registry.New()
	transientErr := assertErr("still down")
	h := &mocks.Handler{Fn: func(ctx context.Context, payload json.RawMessage) (json.RawMessage, error) { return nil, transientErr }}
	require.NoError(t, reg.Register("payments", "charge", h))

	tsq := &mocks.TroubleshootingEnqueuer{}
	cfg := DefaultConfig("payments")
	cfg.RetryPolicy.MaxAttempts = 3
	p, mock := newPool(t, cfg, reg, tsq)

	now := time.Now()
	rows := sqlmock.NewRows([]string{
		"domain", "command_id", "command_type", "correlation_id", "process_id",
		"payload", "status", "attempts", "max_attempts", "msg_id", "last_error", "last_error_code",
		"notify_tsq_failure", "created_at", "updated_at",
	}).AddRow("payments", "c-1", "charge", "c-1", "", []byte(`{}`), repository.StatusPending, 2, 3, nil, nil, nil, false, now, now)

	mock.ExpectQuery("FROM commandbus.command WHERE domain").WithArgs("payments", "c-1").WillReturnRows(rows)
	mock.ExpectQuery("UPDATE commandbus.command SET attempts").WithArgs("payments", "c-1").
		WillReturnRows(sqlmock.NewRows([]string{"attempts"}).AddRow(3))
	mock.ExpectExec("INSERT INTO commandbus.audit_log").WillReturnResult(sqlmock.NewResult(1, 1))
	mock.ExpectExec("UPDATE commandbus.command SET status").WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec("INSERT INTO commandbus.audit_log").WillReturnResult(sqlmock.NewResult(1, 1))
	mock.ExpectExec("INSERT INTO commandbus.audit_log").WillReturnResult(sqlmock.NewResult(1, 1))
	mock.ExpectBegin()
	mock.ExpectExec("UPDATE commandbus.command").WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec("INSERT INTO commandbus.audit_log").WillReturnResult(sqlmock.NewResult(1, 1))
	mock.ExpectExec("INSERT INTO commandbus.q_payments_archive").WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	p.process(context.Background(), queue.Message{MsgID: 1, CommandID: "c-1", Domain: "payments", Payload: []byte(`{}`)})

	assert.Equal(t, 1, tsq.Count())
}

type assertErr string

func (e assertErr) Error() string { return string(e) }

func TestReconcileStuckCommandsResetsToPending(t *testing.T) {
	reg := registry.New()
	cfg := DefaultConfig("payments")
	p, mock := newPool(t, cfg, reg, &mocks.TroubleshootingEnqueuer{})

	stuckRows := sqlmock.NewRows([]string{
		"domain", "command_id", "command_type", "correlation_id", "process_id",
		"payload", "status", "attempts", "max_attempts", "msg_id", "last_error", "last_error_code",
		"notify_tsq_failure", "created_at", "updated_at",
	}).AddRow("payments", "c-9", "charge", "c-9", "", []byte(`{}`), repository.StatusInProgress, 1, 3, nil, nil, nil, false, time.Now(), time.Now())

	mock.ExpectQuery("FROM commandbus.command").WillReturnRows(stuckRows)
	mock.ExpectBegin()
	mock.ExpectExec("UPDATE commandbus.command SET status").WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec("INSERT INTO commandbus.audit_log").WillReturnResult(sqlmock.NewResult(1, 1))
	mock.ExpectCommit()

	err := p.ReconcileStuckCommands(context.Background())
	require.NoError(t, err)
}

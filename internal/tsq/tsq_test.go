package tsq

import (
	"context"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/FreeSideNomad/rcmd-sub001/internal/audit"
	"github.com/FreeSideNomad/rcmd-sub001/internal/commanderrors"
	"github.com/FreeSideNomad/rcmd-sub001/internal/dbconn"
	"github.com/FreeSideNomad/rcmd-sub001/internal/queue"
	"github.com/FreeSideNomad/rcmd-sub001/internal/repository"
)

type fakeHook struct {
	alerted bool
	domain  string
	cmdID   string
}

func (h *fakeHook) Alert(domain, commandID, lastError string) {
	h.alerted = true
	h.domain = domain
	h.cmdID = commandID
}

func newTSQ(t *testing.T, hook AlertHook) (*Queue, sqlmock.Sqlmock) {
	t.Helper()
	sqlDB, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { sqlDB.Close() })

	db := &dbconn.DB{Client: sqlDB, Config: &dbconn.Config{MaxOpenConns: 10}}
	q := queue.New(db)
	repo := repository.New(sqlDB)
	auditLog := audit.New(sqlDB)
	return New(repo, auditLog, q, hook), mock
}

func tsqRow(status repository.Status) *sqlmock.Rows {
	now := time.Now()
	return sqlmock.NewRows([]string{
		"domain", "command_id", "command_type", "correlation_id", "process_id",
		"payload", "status", "attempts", "max_attempts", "msg_id", "last_error", "last_error_code",
		"notify_tsq_failure", "created_at", "updated_at",
	}).AddRow("payments", "c-1", "charge", "c-1", "", []byte(`{}`), status, 3, 3, nil, nil, nil, false, now, now)
}

func TestEnrollFiresHookAndSurvivesPanic(t *testing.T) {
	hook := &fakeHook{}
	q, _ := newTSQ(t, hook)

	err := q.Enroll(context.Background(), nil, "payments", "c-1", assertErr("boom"))
	require.NoError(t, err)
	assert.True(t, hook.alerted)
	assert.Equal(t, "payments", hook.domain)

	panicking, _ := newTSQ(t, panicHook{})
	var panicErr error
	assert.NotPanics(t, func() {
		panicErr = panicking.Enroll(context.Background(), nil, "payments", "c-1", assertErr("boom"))
	})
	assert.NoError(t, panicErr)
}

type panicHook struct{}

func (panicHook) Alert(domain, commandID, lastError string) { panic("alert failed") }

type assertErr string

func (e assertErr) Error() string { return string(e) }

func TestEnrollToleratesNilHook(t *testing.T) {
	q, _ := newTSQ(t, nil)
	err := q.Enroll(context.Background(), nil, "payments", "c-1", assertErr("boom"))
	require.NoError(t, err)
}

func TestOperatorRetryRejectsCommandNotInTSQ(t *testing.T) {
	q, mock := newTSQ(t, nil)
	mock.ExpectQuery("FROM commandbus.command WHERE domain").WithArgs("payments", "c-1").
		WillReturnRows(tsqRow(repository.StatusCompleted))

	err := q.OperatorRetry(context.Background(), "payments", "c-1")
	var notInTSQ *commanderrors.NotInTroubleshootingQueueError
	require.ErrorAs(t, err, &notInTSQ)
}

func TestOperatorRetryReenqueuesAndResetsAttempts(t *testing.T) {
	q, mock := newTSQ(t, nil)
	mock.ExpectQuery("FROM commandbus.command WHERE domain").WithArgs("payments", "c-1").
		WillReturnRows(tsqRow(repository.StatusInTroubleshooting))

	mock.ExpectBegin()
	mock.ExpectQuery("INSERT INTO commandbus.q_payments").WillReturnRows(sqlmock.NewRows([]string{"msg_id"}).AddRow(int64(5)))
	mock.ExpectExec("UPDATE commandbus.command SET msg_id").WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec("UPDATE commandbus.command SET status").WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectQuery("UPDATE commandbus.command SET attempts").WithArgs("payments", "c-1").
		WillReturnRows(sqlmock.NewRows([]string{"attempts"}).AddRow(0))
	mock.ExpectExec("UPDATE commandbus.command").WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec("INSERT INTO commandbus.audit_log").WillReturnResult(sqlmock.NewResult(1, 1))
	mock.ExpectExec("NOTIFY commandbus_payments").WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectCommit()

	err := q.OperatorRetry(context.Background(), "payments", "c-1")
	require.NoError(t, err)
}

func TestOperatorCancelMarksCanceled(t *testing.T) {
	q, mock := newTSQ(t, nil)
	mock.ExpectQuery("FROM commandbus.command WHERE domain").WithArgs("payments", "c-1").
		WillReturnRows(tsqRow(repository.StatusInTroubleshooting))

	mock.ExpectBegin()
	mock.ExpectExec("UPDATE commandbus.command SET status").WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec("INSERT INTO commandbus.audit_log").WillReturnResult(sqlmock.NewResult(1, 1))
	mock.ExpectCommit()

	err := q.OperatorCancel(context.Background(), "payments", "c-1")
	require.NoError(t, err)
}

func TestOperatorCompleteMarksCompleted(t *testing.T) {
	q, mock := newTSQ(t, nil)
	mock.ExpectQuery("FROM commandbus.command WHERE domain").WithArgs("payments", "c-1").
		WillReturnRows(tsqRow(repository.StatusInTroubleshooting))

	mock.ExpectBegin()
	mock.ExpectExec("UPDATE commandbus.command SET status").WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec("INSERT INTO commandbus.audit_log").WillReturnResult(sqlmock.NewResult(1, 1))
	mock.ExpectCommit()

	err := q.OperatorComplete(context.Background(), "payments", "c-1")
	require.NoError(t, err)
}

func TestCountReportsTSQSize(t *testing.T) {
	q, mock := newTSQ(t, nil)
	rows := sqlmock.NewRows([]string{
		"domain", "command_id", "command_type", "correlation_id", "process_id",
		"payload", "status", "attempts", "max_attempts", "msg_id", "last_error", "last_error_code",
		"notify_tsq_failure", "created_at", "updated_at",
	})
	mock.ExpectQuery("FROM commandbus.command WHERE 1=1").WillReturnRows(rows)

	n, err := q.Count(context.Background(), "payments")
	require.NoError(t, err)
	assert.Equal(t, 0, n)
}

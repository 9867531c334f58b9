package bus

import (
	"context"
	"testing"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/FreeSideNomad/rcmd-sub001/internal/audit"
	"github.com/FreeSideNomad/rcmd-sub001/internal/dbconn"
	"github.com/FreeSideNomad/rcmd-sub001/internal/queue"
	"github.com/FreeSideNomad/rcmd-sub001/internal/repository"
)

func newBus(t *testing.T) (*Bus, sqlmock.Sqlmock) {
	t.Helper()
	sqlDB, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { sqlDB.Close() })

	db := &dbconn.DB{Client: sqlDB, Config: &dbconn.Config{MaxOpenConns: 10}}
	q := queue.New(db)
	repo := repository.New(sqlDB)
	auditLog := audit.New(sqlDB)
	return New(q, repo, auditLog), mock
}

func TestSendGeneratesIDsAndCommitsOnce(t *testing.T) {
	b, mock := newBus(t)

	mock.ExpectBegin()
	mock.ExpectExec("INSERT INTO commandbus.command").WillReturnResult(sqlmock.NewResult(1, 1))
	mock.ExpectQuery("INSERT INTO commandbus.q_payments").
		WillReturnRows(sqlmock.NewRows([]string{"msg_id"}).AddRow(int64(1)))
	mock.ExpectExec("UPDATE commandbus.command SET msg_id").WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec("INSERT INTO commandbus.audit_log").WillReturnResult(sqlmock.NewResult(1, 1))
	mock.ExpectExec("NOTIFY commandbus_payments").WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectCommit()

	id, err := b.Send(context.Background(), Command{Domain: "payments", CommandType: "charge", Payload: []byte(`{}`)})
	require.NoError(t, err)
	assert.NotEmpty(t, id)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestSendRollsBackOnDuplicate(t *testing.T) {
	b, mock := newBus(t)

	mock.ExpectBegin()
	mock.ExpectExec("INSERT INTO commandbus.command").WillReturnError(&pgErrStub{})
	mock.ExpectRollback()

	_, err := b.Send(context.Background(), Command{
		Domain: "payments", CommandID: "c-1", CommandType: "charge", Payload: []byte(`{}`),
	})
	require.Error(t, err)
}

type pgErrStub struct{}

func (e *pgErrStub) Error() string    { return "duplicate key" }
func (e *pgErrStub) SQLState() string { return "23505" }

func TestSendBatchNotifiesEachDistinctDomainOnce(t *testing.T) {
	b, mock := newBus(t)

	mock.ExpectBegin()
	for i := 0; i < 2; i++ {
		mock.ExpectExec("INSERT INTO commandbus.command").WillReturnResult(sqlmock.NewResult(1, 1))
		mock.ExpectQuery("INSERT INTO commandbus.q_payments").
			WillReturnRows(sqlmock.NewRows([]string{"msg_id"}).AddRow(int64(i + 1)))
		mock.ExpectExec("UPDATE commandbus.command SET msg_id").WillReturnResult(sqlmock.NewResult(0, 1))
		mock.ExpectExec("INSERT INTO commandbus.audit_log").WillReturnResult(sqlmock.NewResult(1, 1))
	}
	mock.ExpectExec("NOTIFY commandbus_payments").WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectCommit()

	ids, err := b.SendBatch(context.Background(), []Command{
		{Domain: "payments", CommandType: "charge", Payload: []byte(`{}`)},
		{Domain: "payments", CommandType: "refund", Payload: []byte(`{}`)},
	})
	require.NoError(t, err)
	assert.Len(t, ids, 2)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestDistinctDomainsDedupsPreservingOrder(t *testing.T) {
	cmds := []Command{{Domain: "payments"}, {Domain: "orders"}, {Domain: "payments"}}
	assert.Equal(t, []string{"payments", "orders"}, distinctDomains(cmds))
}

func TestGetCommandDelegatesToRepository(t *testing.T) {
	b, mock := newBus(t)

	rows := sqlmock.NewRows([]string{
		"domain", "command_id", "command_type", "correlation_id", "process_id",
		"payload", "status", "attempts", "max_attempts", "msg_id", "last_error", "last_error_code",
		"notify_tsq_failure", "created_at", "updated_at",
	})
	mock.ExpectQuery("FROM commandbus.command WHERE domain").WithArgs("payments", "c-1").WillReturnRows(rows)

	_, err := b.GetCommand(context.Background(), "payments", "c-1")
	require.Error(t, err) // no row scanned -> sql.ErrNoRows, proves delegation happened
}

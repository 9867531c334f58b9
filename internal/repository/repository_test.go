package repository

import (
	"context"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/FreeSideNomad/rcmd-sub001/internal/commanderrors"
)

// fakePgError satisfies the unexported SQLState() interface repository.go
// type-asserts against, without depending on a concrete pgx/lib-pq error type.
type fakePgError struct{ code string }

func (e *fakePgError) Error() string    { return "pg error " + e.code }
func (e *fakePgError) SQLState() string { return e.code }

func newMock(t *testing.T) (*Repository, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return New(db), mock
}

func TestSaveSucceeds(t *testing.T) {
	repo, mock := newMock(t)

	mock.ExpectBegin()
	tx, err := repo.db.Begin()
	require.NoError(t, err)

	mock.ExpectExec("INSERT INTO commandbus.command").
		WithArgs("payments", "c-1", "charge", "c-1", "", []byte(`{}`), StatusPending, 3, false).
		WillReturnResult(sqlmock.NewResult(1, 1))

	err = repo.Save(context.Background(), tx, &Command{
		Domain: "payments", CommandID: "c-1", CommandType: "charge",
		CorrelationID: "c-1", Payload: []byte(`{}`), MaxAttempts: 3,
	})
	require.NoError(t, err)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestSaveDuplicateReturnsTypedError(t *testing.T) {
	repo, mock := newMock(t)

	mock.ExpectBegin()
	tx, err := repo.db.Begin()
	require.NoError(t, err)

	mock.ExpectExec("INSERT INTO commandbus.command").
		WillReturnError(&fakePgError{code: "23505"})

	err = repo.Save(context.Background(), tx, &Command{
		Domain: "payments", CommandID: "c-1", CommandType: "charge", Payload: []byte(`{}`),
	})

	var dupErr *commanderrors.DuplicateCommandError
	require.ErrorAs(t, err, &dupErr)
	assert.Equal(t, "payments", dupErr.Domain)
	assert.Equal(t, "c-1", dupErr.CommandID)
}

func TestGetScansRow(t *testing.T) {
	repo, mock := newMock(t)
	now := time.Now()

	rows := sqlmock.NewRows([]string{
		"domain", "command_id", "command_type", "correlation_id", "process_id",
		"payload", "status", "attempts", "max_attempts", "msg_id", "last_error", "last_error_code",
		"notify_tsq_failure", "created_at", "updated_at",
	}).AddRow("payments", "c-1", "charge", "c-1", "", []byte(`{"amount":5}`), StatusPending, 0, 3, nil, nil, nil, false, now, now)

	mock.ExpectQuery("FROM commandbus.command WHERE domain").WithArgs("payments", "c-1").WillReturnRows(rows)

	cmd, err := repo.Get(context.Background(), "payments", "c-1")
	require.NoError(t, err)
	assert.Equal(t, "charge", cmd.CommandType)
	assert.JSONEq(t, `{"amount":5}`, string(cmd.Payload))
}

func TestIncrementAttemptsReturnsNewCount(t *testing.T) {
	repo, mock := newMock(t)

	mock.ExpectQuery("UPDATE commandbus.command SET attempts").
		WithArgs("payments", "c-1").
		WillReturnRows(sqlmock.NewRows([]string{"attempts"}).AddRow(2))

	attempts, err := repo.IncrementAttempts(context.Background(), nil, "payments", "c-1")
	require.NoError(t, err)
	assert.Equal(t, 2, attempts)
}

func TestUpdateStatusStandaloneAndInTx(t *testing.T) {
	repo, mock := newMock(t)

	mock.ExpectExec("UPDATE commandbus.command SET status").
		WithArgs(StatusCompleted, "payments", "c-1").
		WillReturnResult(sqlmock.NewResult(0, 1))
	require.NoError(t, repo.UpdateStatus(context.Background(), nil, "payments", "c-1", StatusCompleted))

	mock.ExpectBegin()
	tx, err := repo.db.Begin()
	require.NoError(t, err)
	mock.ExpectExec("UPDATE commandbus.command SET status").
		WithArgs(StatusFailed, "payments", "c-2").
		WillReturnResult(sqlmock.NewResult(0, 1))
	require.NoError(t, repo.UpdateStatus(context.Background(), tx, "payments", "c-2", StatusFailed))

	require.NoError(t, mock.ExpectationsWereMet())
}

func TestRecordError(t *testing.T) {
	repo, mock := newMock(t)

	mock.ExpectExec("UPDATE commandbus.command").
		WithArgs(StatusPending, "RATE_LIMIT", "slow down", "payments", "c-1").
		WillReturnResult(sqlmock.NewResult(0, 1))

	err := repo.RecordError(context.Background(), nil, "payments", "c-1", StatusPending, "RATE_LIMIT", "slow down")
	require.NoError(t, err)
}

func TestQueryAppliesFilters(t *testing.T) {
	repo, mock := newMock(t)

	rows := sqlmock.NewRows([]string{
		"domain", "command_id", "command_type", "correlation_id", "process_id",
		"payload", "status", "attempts", "max_attempts", "msg_id", "last_error", "last_error_code",
		"notify_tsq_failure", "created_at", "updated_at",
	})

	mock.ExpectQuery("FROM commandbus.command WHERE 1=1").
		WithArgs("payments", StatusPending, 100).
		WillReturnRows(rows)

	cmds, err := repo.Query(context.Background(), Filter{Domain: "payments", Status: StatusPending})
	require.NoError(t, err)
	assert.Empty(t, cmds)
}

func TestFindStuckInProgress(t *testing.T) {
	repo, mock := newMock(t)
	threshold := time.Now().Add(-time.Minute)

	rows := sqlmock.NewRows([]string{
		"domain", "command_id", "command_type", "correlation_id", "process_id",
		"payload", "status", "attempts", "max_attempts", "msg_id", "last_error", "last_error_code",
		"notify_tsq_failure", "created_at", "updated_at",
	}).AddRow("payments", "c-9", "charge", "c-9", "", []byte(`{}`), StatusInProgress, 1, 3, nil, nil, nil, false, threshold, threshold)

	mock.ExpectQuery("FROM commandbus.command").
		WithArgs("payments", StatusInProgress, threshold).
		WillReturnRows(rows)

	stuck, err := repo.FindStuckInProgress(context.Background(), "payments", threshold)
	require.NoError(t, err)
	require.Len(t, stuck, 1)
	assert.Equal(t, "c-9", stuck[0].CommandID)
}

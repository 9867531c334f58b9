package audit

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newMock(t *testing.T) (*Logger, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return New(db), mock
}

func TestLogStandaloneDefaultsEmptyDetail(t *testing.T) {
	l, mock := newMock(t)

	mock.ExpectExec("INSERT INTO commandbus.audit_log").
		WithArgs("payments", "c-1", "c-1", EventSent, []byte(`{}`)).
		WillReturnResult(sqlmock.NewResult(1, 1))

	err := l.Log(context.Background(), nil, Entry{
		Domain: "payments", CommandID: "c-1", CorrelationID: "c-1", EventType: EventSent,
	})
	require.NoError(t, err)
}

func TestLogInTxPreservesDetail(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()
	l := New(db)

	mock.ExpectBegin()
	tx, err := db.Begin()
	require.NoError(t, err)

	mock.ExpectExec("INSERT INTO commandbus.audit_log").
		WithArgs("payments", "c-1", "c-1", EventCompleted, []byte(`{"ok":true}`)).
		WillReturnResult(sqlmock.NewResult(1, 1))

	err = l.Log(context.Background(), tx, Entry{
		Domain: "payments", CommandID: "c-1", CorrelationID: "c-1",
		EventType: EventCompleted, Detail: json.RawMessage(`{"ok":true}`),
	})
	require.NoError(t, err)
}

func TestLogBatchStopsOnFirstError(t *testing.T) {
	l, mock := newMock(t)

	mock.ExpectExec("INSERT INTO commandbus.audit_log").
		WithArgs("payments", "c-1", "c-1", EventSent, []byte(`{}`)).
		WillReturnResult(sqlmock.NewResult(1, 1))
	mock.ExpectExec("INSERT INTO commandbus.audit_log").
		WithArgs("payments", "c-2", "c-2", EventSent, []byte(`{}`)).
		WillReturnError(errors.New("boom"))

	err := l.LogBatch(context.Background(), nil, []Entry{
		{Domain: "payments", CommandID: "c-1", CorrelationID: "c-1", EventType: EventSent},
		{Domain: "payments", CommandID: "c-2", CorrelationID: "c-2", EventType: EventSent},
	})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "log_batch item 1")
}

func TestTrailReturnsOldestFirst(t *testing.T) {
	l, mock := newMock(t)
	now := time.Now()

	rows := sqlmock.NewRows([]string{"domain", "command_id", "correlation_id", "event_type", "detail", "recorded_at"}).
		AddRow("payments", "c-1", "c-1", EventSent, []byte(`{}`), now).
		AddRow("payments", "c-1", "c-1", EventCompleted, []byte(`{}`), now)

	mock.ExpectQuery("FROM commandbus.audit_log").WithArgs("payments", "c-1").WillReturnRows(rows)

	trail, err := l.Trail(context.Background(), "payments", "c-1")
	require.NoError(t, err)
	require.Len(t, trail, 2)
	assert.Equal(t, EventSent, trail[0].EventType)
	assert.Equal(t, EventCompleted, trail[1].EventType)
}

//go:build integration

package bus

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/FreeSideNomad/rcmd-sub001/internal/audit"
	"github.com/FreeSideNomad/rcmd-sub001/internal/dbconn"
	"github.com/FreeSideNomad/rcmd-sub001/internal/queue"
	"github.com/FreeSideNomad/rcmd-sub001/internal/repository"
	"github.com/FreeSideNomad/rcmd-sub001/internal/schema"
	"github.com/FreeSideNomad/rcmd-sub001/internal/testutil"
)

// TestSendRoundTripsThroughRealPostgres exercises Send/Get against an actual
// database instead of sqlmock expectations, proving the SQL this package
// generates is accepted by the server and not just by the mock's matcher.
func TestSendRoundTripsThroughRealPostgres(t *testing.T) {
	sqlDB := testutil.RequireDatabase(t)
	testutil.TruncateQueue(t, sqlDB, "payments")

	require.NoError(t, schema.EnsureQueueTables(sqlDB, "payments"))

	db := &dbconn.DB{Client: sqlDB, Config: &dbconn.Config{MaxOpenConns: 10}}
	b := New(queue.New(db), repository.New(sqlDB), audit.New(sqlDB))

	commandID, err := b.Send(context.Background(), Command{
		Domain:      "payments",
		CommandType: "charge",
		Payload:     json.RawMessage(`{"amount":500}`),
	})
	require.NoError(t, err)
	require.NotEmpty(t, commandID)

	cmd, err := b.GetCommand(context.Background(), "payments", commandID)
	require.NoError(t, err)
	require.Equal(t, repository.StatusPending, cmd.Status)
}

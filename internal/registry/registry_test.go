package registry

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/FreeSideNomad/rcmd-sub001/internal/commanderrors"
)

func echoHandler() HandlerFunc {
	return func(ctx context.Context, payload json.RawMessage) (json.RawMessage, error) {
		return payload, nil
	}
}

func TestRegisterAndLookup(t *testing.T) {
	r := New()
	h := echoHandler()

	require.NoError(t, r.Register("payments", "charge", h))

	got, err := r.Lookup("payments", "charge")
	require.NoError(t, err)

	result, err := got.Handle(context.Background(), json.RawMessage(`{"amount":5}`))
	require.NoError(t, err)
	assert.JSONEq(t, `{"amount":5}`, string(result))
}

func TestRegisterDuplicateFails(t *testing.T) {
	r := New()
	require.NoError(t, r.Register("payments", "charge", echoHandler()))

	err := r.Register("payments", "charge", echoHandler())
	require.Error(t, err)

	var dupErr *commanderrors.HandlerAlreadyRegisteredError
	require.ErrorAs(t, err, &dupErr)
	assert.Equal(t, "payments", dupErr.Domain)
	assert.Equal(t, "charge", dupErr.CommandType)
}

func TestLookupUnregisteredFails(t *testing.T) {
	r := New()

	_, err := r.Lookup("payments", "refund")
	require.Error(t, err)

	var notFound *commanderrors.HandlerNotFoundError
	require.ErrorAs(t, err, &notFound)
}

func TestRegistryIsKeyedPerDomainAndType(t *testing.T) {
	r := New()
	require.NoError(t, r.Register("payments", "charge", echoHandler()))
	require.NoError(t, r.Register("orders", "charge", echoHandler()))
	require.NoError(t, r.Register("payments", "refund", echoHandler()))

	for _, k := range []struct{ domain, cmdType string }{
		{"payments", "charge"}, {"orders", "charge"}, {"payments", "refund"},
	} {
		_, err := r.Lookup(k.domain, k.cmdType)
		assert.NoError(t, err)
	}
}

func TestMustRegisterPanicsOnDuplicate(t *testing.T) {
	r := New()
	r.MustRegister("payments", "charge", echoHandler())

	assert.Panics(t, func() {
		r.MustRegister("payments", "charge", echoHandler())
	})
}

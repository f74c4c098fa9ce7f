package enroute

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func noop(ctx context.Context, rc CallbackContext, data []byte) ([]byte, error) { return data, nil }

func TestRegisterTopicRejectsDuplicate(t *testing.T) {
	r := New()
	require.NoError(t, r.RegisterTopic(Command, "AddOrder", noop))

	err := r.RegisterTopic(Event, "AddOrder", noop)
	require.Error(t, err)

	var conflict *ConflictError
	require.ErrorAs(t, err, &conflict)
	assert.Equal(t, Command, conflict.Existing)
	assert.Equal(t, Event, conflict.New)
}

func TestCallbackForTopicNotFound(t *testing.T) {
	r := New()
	_, _, ok := r.CallbackForTopic("Missing")
	assert.False(t, ok)
}

func TestTopicsForKind(t *testing.T) {
	r := New()
	require.NoError(t, r.RegisterTopic(Command, "AddOrder", noop))
	require.NoError(t, r.RegisterTopic(Command, "DeleteOrder", noop))
	require.NoError(t, r.RegisterTopic(Event, "OrderAdded", noop))

	assert.ElementsMatch(t, []string{"AddOrder", "DeleteOrder"}, r.TopicsForKind(Command))
	assert.Equal(t, []string{"OrderAdded"}, r.TopicsForKind(Event))
}

func TestRegisterRouteRejectsDuplicate(t *testing.T) {
	r := New()
	route := RESTRoute{Path: "/order", Method: "GET"}
	require.NoError(t, r.RegisterRoute(Query, route, noop))
	assert.Error(t, r.RegisterRoute(Query, route, noop))
}

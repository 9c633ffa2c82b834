package envelope

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/krew-solutions/workhub-go/workhub/ids"
)

func TestNewHasNoHops(t *testing.T) {
	e := New(map[string]any{"kind": "OrderCreated"})
	assert.NotEqual(t, uuid.Nil, e.MessageID)
	assert.Empty(t, e.Hops)
}

func TestAppendHopDoesNotMutateOriginal(t *testing.T) {
	e := New("payload")
	stamped := e.AppendHop(Hop{ServiceInstance: ServiceInstanceStamp{ServiceName: "orders"}, Timestamp: time.Now()})

	assert.Empty(t, e.Hops)
	assert.Len(t, stamped.Hops, 1)
}

func TestCorrelationIDFallsBackToMessageID(t *testing.T) {
	e := New("payload")
	assert.Equal(t, e.MessageID, e.CorrelationID())
}

func TestCorrelationIDUsesFirstHop(t *testing.T) {
	corr := ids.New()
	e := New("payload").
		AppendHop(Hop{CorrelationID: &corr}).
		AppendHop(Hop{})

	assert.Equal(t, corr, e.CorrelationID())
}

func TestCausationChainSkipsHopsWithoutOne(t *testing.T) {
	c1 := ids.New()
	c2 := ids.New()
	e := New("payload").
		AppendHop(Hop{CausationID: &c1}).
		AppendHop(Hop{}).
		AppendHop(Hop{CausationID: &c2})

	assert.Equal(t, []uuid.UUID{c1, c2}, e.CausationChain())
}

func TestWireRoundTripOmitsUnsetFields(t *testing.T) {
	e := New(map[string]any{"amount": float64(12)}).
		AppendHop(Hop{
			ServiceInstance: ServiceInstanceStamp{ServiceName: "orders", InstanceID: ids.New(), HostName: "h1", ProcessID: 42},
			Timestamp:       time.Now().UTC().Truncate(time.Millisecond),
		})

	data, err := json.Marshal(e)
	require.NoError(t, err)

	var raw map[string]any
	require.NoError(t, json.Unmarshal(data, &raw))
	hops := raw["hops"].([]any)
	hop := hops[0].(map[string]any)
	_, hasTopic := hop["topic"]
	assert.False(t, hasTopic)

	var decoded MessageEnvelope
	require.NoError(t, json.Unmarshal(data, &decoded))
	assert.Equal(t, e.MessageID, decoded.MessageID)
	assert.Equal(t, e.Hops[0].ServiceInstance, decoded.Hops[0].ServiceInstance)
	assert.True(t, e.Hops[0].Timestamp.Equal(decoded.Hops[0].Timestamp))
}

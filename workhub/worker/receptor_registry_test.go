package worker

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/krew-solutions/workhub-go/workhub/batchscope"
	"github.com/krew-solutions/workhub-go/workhub/mediator"
	"github.com/krew-solutions/workhub-go/workhub/registry"
	"github.com/krew-solutions/workhub-go/workhub/store"
)

type orderCreated struct {
	Amount int `json:"amount"`
}

func TestRegistryReceptor_DecodesAndDispatchesToSubscriber(t *testing.T) {
	reg := registry.New()
	reg.Register("OrderCreated", func(data []byte) (any, error) {
		var v orderCreated
		if err := json.Unmarshal(data, &v); err != nil {
			return nil, err
		}
		return v, nil
	})
	reg.Seal()

	med := mediator.NewMediator[*EventContext]()
	var got orderCreated
	mediator.Subscribe(med, func(evctx *EventContext, e orderCreated) error {
		got = e
		return nil
	})

	receptor := NewRegistryReceptor(reg, med)
	item := store.WorkItem{EnvelopeType: "OrderCreated", EnvelopeData: []byte(`{"amount":42}`)}

	err := receptor(context.Background(), &batchscope.Scope{}, item)
	require.NoError(t, err)
	assert.Equal(t, orderCreated{Amount: 42}, got)
}

func TestRegistryReceptor_UnknownTypeFails(t *testing.T) {
	reg := registry.New()
	reg.Seal()
	med := mediator.NewMediator[*EventContext]()

	receptor := NewRegistryReceptor(reg, med)
	item := store.WorkItem{EnvelopeType: "Unknown", EnvelopeData: []byte(`{}`)}

	err := receptor(context.Background(), &batchscope.Scope{}, item)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "no decoder registered")
}

func TestRegistryReceptor_NoSubscriberIsANoOp(t *testing.T) {
	reg := registry.New()
	reg.Register("OrderCreated", func(data []byte) (any, error) { return orderCreated{}, nil })
	reg.Seal()
	med := mediator.NewMediator[*EventContext]()

	receptor := NewRegistryReceptor(reg, med)
	item := store.WorkItem{EnvelopeType: "OrderCreated", EnvelopeData: []byte(`{}`)}

	err := receptor(context.Background(), &batchscope.Scope{}, item)
	require.NoError(t, err, "an event with no registered subscriber is not an error")
}

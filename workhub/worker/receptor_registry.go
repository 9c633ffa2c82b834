package worker

import (
	"context"
	"fmt"

	"github.com/krew-solutions/workhub-go/workhub/batchscope"
	"github.com/krew-solutions/workhub-go/workhub/mediator"
	"github.com/krew-solutions/workhub-go/workhub/registry"
	"github.com/krew-solutions/workhub-go/workhub/store"
)

// EventContext is the session a registry-backed receptor publishes
// decoded payloads under: the scope a subscriber queues side effects on,
// plus the inbox item that carried the event.
type EventContext struct {
	Scope *batchscope.Scope
	Item  store.WorkItem
}

// EventMediator dispatches a decoded payload to every subscriber
// registered for its concrete Go type via mediator.Subscribe.
type EventMediator = mediator.MediatorImp[*EventContext]

// NewRegistryReceptor builds a Receptor that decodes an inbox item's
// EnvelopeData through reg and publishes the resulting value on med,
// fanning it out to every mediator.Subscribe'd handler for that payload's
// concrete type. An item whose type has no decoder fails outright; a
// decoded payload with no subscribers is a silent no-op, the same as
// mediator.Publish for any other event nobody is listening for.
func NewRegistryReceptor(reg *registry.Registry, med *EventMediator) Receptor {
	return func(ctx context.Context, scope *batchscope.Scope, item store.WorkItem) error {
		decode, ok := reg.Lookup(item.EnvelopeType)
		if !ok {
			return fmt.Errorf("receptor: no decoder registered for envelope type %q", item.EnvelopeType)
		}
		payload, err := decode(item.EnvelopeData)
		if err != nil {
			return fmt.Errorf("receptor: decode %q: %w", item.EnvelopeType, err)
		}

		return mediator.Publish(med, &EventContext{Scope: scope, Item: item}, payload)
	}
}

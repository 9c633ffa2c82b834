package worker

import (
	"context"
	"sync"

	"github.com/google/uuid"

	"github.com/krew-solutions/workhub-go/workhub/batchscope"
	"github.com/krew-solutions/workhub-go/workhub/signals"
	"github.com/krew-solutions/workhub-go/workhub/store"
)

// Receptor is the in-process handler for one claimed inbox message. It
// runs inside its own Scope, so any outbox message, completion or
// perspective entry it queues commits atomically with the message's own
// Delivered/ReceptorProcessed completion on the scope's flush. Returning
// an error marks the message Failed and cascade-releases the rest of its
// stream; a nil return marks it delivered and receptor-processed.
//
// This is the dispatch contract the glossary calls Receptor: "an
// in-process handler that reacts to one message type" — Receptor here is
// the worker-facing function shape. NewRegistryReceptor is the Receptor
// this package ships; it dispatches through the mediator package's
// Publish/Subscribe.
type Receptor func(ctx context.Context, scope *batchscope.Scope, item store.WorkItem) error

// InboxDispatcher is the background worker wrapping the inbox half of
// ProcessWorkBatch: claim rows in owned partitions, run each claimed
// message's Receptor on its own goroutine inside its own scope, and on
// every poll renew the lease of each message whose Receptor is still
// running.
type InboxDispatcher struct {
	store    batchscope.Flusher
	scopes   *batchscope.Factory
	receptor Receptor
	instance store.InstanceIdentity
	loop     *Loop

	mu       sync.Mutex
	inFlight map[uuid.UUID]struct{}

	onDisposeFailed signals.Signal[DisposeFailedEvent]
}

// DisposeFailedEvent is notified when a message's scope failed to flush
// on dispose — the completion or failure recorded for that message was
// not durably committed. The scope is not flushed again; the message's
// lease expires and the message is reclaimed.
type DisposeFailedEvent struct {
	MessageID uuid.UUID
	Err       error
}

// NewInboxDispatcher returns a dispatcher that claims work from st under
// instance's identity, runs receptor for each claimed message, and opens
// every message's scope through scopes.
func NewInboxDispatcher(st batchscope.Flusher, scopes *batchscope.Factory, receptor Receptor, instance store.InstanceIdentity, opts Options) *InboxDispatcher {
	d := &InboxDispatcher{
		store:    st,
		scopes:   scopes,
		receptor: receptor,
		instance: instance,
		inFlight: make(map[uuid.UUID]struct{}),
	}
	d.onDisposeFailed = signals.NewSignal[DisposeFailedEvent]()
	d.loop = NewLoop(opts, d.poll)
	return d
}

func (d *InboxDispatcher) Loop() *Loop { return d.loop }

func (d *InboxDispatcher) OnDisposeFailed() signals.Signal[DisposeFailedEvent] {
	return d.onDisposeFailed
}

func (d *InboxDispatcher) Run(ctx context.Context) error {
	return d.loop.Run(ctx)
}

func (d *InboxDispatcher) poll(ctx context.Context) (int, error) {
	d.mu.Lock()
	renew := make([]uuid.UUID, 0, len(d.inFlight))
	for id := range d.inFlight {
		renew = append(renew, id)
	}
	d.mu.Unlock()

	resp, err := d.store.ProcessWorkBatch(ctx, store.Request{
		Instance:           d.instance,
		RenewInboxLeaseIDs: renew,
	})
	if err != nil {
		return 0, err
	}

	for _, item := range resp.InboxWork {
		item := item
		d.mu.Lock()
		d.inFlight[item.MessageID] = struct{}{}
		d.mu.Unlock()
		go d.dispatch(ctx, item)
	}
	return len(resp.InboxWork), nil
}

func (d *InboxDispatcher) dispatch(ctx context.Context, item store.WorkItem) {
	defer func() {
		d.mu.Lock()
		delete(d.inFlight, item.MessageID)
		d.mu.Unlock()
	}()

	scope := d.scopes.New(d.instance)
	if err := d.receptor(ctx, scope, item); err != nil {
		scope.QueueInboxFailure(store.MessageFailure{
			MessageID:       item.MessageID,
			CompletedStatus: store.StatusDelivered,
			Error:           err.Error(),
		})
	} else {
		scope.QueueInboxCompletion(store.MessageCompletion{
			MessageID:       item.MessageID,
			CompletedStatus: store.StatusDelivered | store.StatusReceptorProcessed,
		})
	}
	if err := scope.DisposeAsync(ctx); err != nil {
		d.onDisposeFailed.Notify(DisposeFailedEvent{MessageID: item.MessageID, Err: err})
	}
}

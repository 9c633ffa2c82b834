package worker

import (
	"context"
	"sync"

	"github.com/google/uuid"

	"github.com/krew-solutions/workhub-go/workhub/batchscope"
	"github.com/krew-solutions/workhub-go/workhub/store"
)

// Transport publishes one outbox work item to the external transport
// (a generic Service Bus, RabbitMQ, …). The concrete broker is a host
// concern; the worker only needs this one method to drive it.
type Transport interface {
	Publish(ctx context.Context, item store.WorkItem) error
}

// OutboxPublisher is the background worker wrapping the outbox half of
// ProcessWorkBatch: claim published-pending rows in owned partitions,
// hand each to Transport on its own goroutine, and report completion or
// failure on the next poll.
type OutboxPublisher struct {
	store     batchscope.Flusher
	transport Transport
	instance  store.InstanceIdentity
	loop      *Loop

	mu          sync.Mutex
	completions []store.MessageCompletion
	failures    []store.MessageFailure
	inFlight    map[uuid.UUID]struct{}
}

// NewOutboxPublisher returns a publisher that claims work from st under
// instance's identity and hands every claimed item to transport.
func NewOutboxPublisher(st batchscope.Flusher, transport Transport, instance store.InstanceIdentity, opts Options) *OutboxPublisher {
	p := &OutboxPublisher{
		store:     st,
		transport: transport,
		instance:  instance,
		inFlight:  make(map[uuid.UUID]struct{}),
	}
	p.loop = NewLoop(opts, p.poll)
	return p
}

func (p *OutboxPublisher) Loop() *Loop { return p.loop }

// Run blocks, polling until ctx is cancelled.
func (p *OutboxPublisher) Run(ctx context.Context) error {
	return p.loop.Run(ctx)
}

func (p *OutboxPublisher) poll(ctx context.Context) (int, error) {
	p.mu.Lock()
	completions, failures := p.completions, p.failures
	p.completions, p.failures = nil, nil
	renew := make([]uuid.UUID, 0, len(p.inFlight))
	for id := range p.inFlight {
		renew = append(renew, id)
	}
	p.mu.Unlock()

	resp, err := p.store.ProcessWorkBatch(ctx, store.Request{
		Instance:            p.instance,
		OutboxCompletions:   completions,
		OutboxFailures:      failures,
		RenewOutboxLeaseIDs: renew,
	})
	if err != nil {
		// Nothing committed: put back what this poll drained so the next
		// attempt resends it.
		p.mu.Lock()
		p.completions = append(completions, p.completions...)
		p.failures = append(failures, p.failures...)
		p.mu.Unlock()
		return 0, err
	}

	for _, item := range resp.OutboxWork {
		item := item
		p.mu.Lock()
		p.inFlight[item.MessageID] = struct{}{}
		p.mu.Unlock()
		go p.dispatch(ctx, item)
	}
	return len(resp.OutboxWork), nil
}

func (p *OutboxPublisher) dispatch(ctx context.Context, item store.WorkItem) {
	err := p.transport.Publish(ctx, item)

	p.mu.Lock()
	defer p.mu.Unlock()
	delete(p.inFlight, item.MessageID)
	if err != nil {
		p.failures = append(p.failures, store.MessageFailure{
			MessageID:       item.MessageID,
			CompletedStatus: item.Status,
			Error:           err.Error(),
		})
		return
	}
	p.completions = append(p.completions, store.MessageCompletion{
		MessageID:       item.MessageID,
		CompletedStatus: store.StatusPublished,
	})
}

package batchscope

import (
	"context"

	"github.com/krew-solutions/workhub-go/workhub/store"
)

// WorkChannel is the in-process multi-producer multi-consumer handoff
// point between a flushed scope and the goroutines waiting to act on
// claimed work. It is process-wide: constructed once per process and
// shared, by reference, by every Scope — breaking the cyclic ownership a
// scope-owned channel would otherwise create between scope, strategy and
// channel (the same separation signals/disposable draws between a
// subscription and the thing it's attached to).
type WorkChannel struct {
	outbox      chan store.WorkItem
	inbox       chan store.WorkItem
	perspective chan store.WorkItem
}

// defaultBuffer is generous enough that a flush rarely blocks on a slow
// consumer, while still bounding memory if nothing is draining a channel.
const defaultBuffer = 256

// NewWorkChannel constructs a work channel with the given per-class buffer
// size. A bufferSize of 0 uses defaultBuffer.
func NewWorkChannel(bufferSize int) *WorkChannel {
	if bufferSize <= 0 {
		bufferSize = defaultBuffer
	}
	return &WorkChannel{
		outbox:      make(chan store.WorkItem, bufferSize),
		inbox:       make(chan store.WorkItem, bufferSize),
		perspective: make(chan store.WorkItem, bufferSize),
	}
}

// Outbox, Inbox and Perspective are the per-class read ends a worker
// range()s over.
func (c *WorkChannel) Outbox() <-chan store.WorkItem      { return c.outbox }
func (c *WorkChannel) Inbox() <-chan store.WorkItem       { return c.inbox }
func (c *WorkChannel) Perspective() <-chan store.WorkItem { return c.perspective }

// publish writes every item in batch to its class channel, each send
// blocking until a consumer (or the channel's buffer) accepts it. A flush
// therefore only returns once every returned item has been handed off,
// per the "synchronous handoff" guarantee of the scoped batching
// strategy. ctx cancellation aborts a send still waiting on a full,
// undrained channel.
func (c *WorkChannel) publish(ctx context.Context, batch store.WorkBatch) error {
	for _, item := range batch.OutboxWork {
		select {
		case c.outbox <- item:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	for _, item := range batch.InboxWork {
		select {
		case c.inbox <- item:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	for _, item := range batch.PerspectiveWork {
		select {
		case c.perspective <- item:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return nil
}

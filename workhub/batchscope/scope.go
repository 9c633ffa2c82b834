// Package batchscope implements a scoped batching strategy: a per-scope
// queue of outbox/inbox messages and completions/failures that collects
// every side effect produced during one logical unit of work (an HTTP
// request, or the handling of one inbox message) and commits them in a
// single ProcessWorkBatch call on flush, handing every item the call
// returns to a process-wide WorkChannel before the scope is considered
// done.
//
// The shape mirrors asceticddd/batch.QueryCollector: collect queries
// (here, queue entries) during a unit of work, then Evaluate (here,
// Flush) them together. Where QueryCollector merges same-shaped INSERTs
// to dodge an N+1, batchscope has no such merging to do —
// ProcessWorkBatch already accepts whole slices per call, so collecting
// is enough.
package batchscope

import (
	"context"
	"sync"

	"github.com/google/uuid"

	"github.com/krew-solutions/workhub-go/workhub/signals"
	"github.com/krew-solutions/workhub-go/workhub/store"
)

// Flusher is the one store method a Scope needs. store.Store satisfies it;
// tests substitute a fake to exercise queue/flush/dispose behavior without
// a database.
type Flusher interface {
	ProcessWorkBatch(ctx context.Context, req store.Request) (store.Response, error)
}

// Scope is single-writer (the code running inside the scope) plus
// single-reader (Flush) by construction; QueueX methods take a mutex only
// so that code queueing concurrently within one scope — e.g. two
// goroutines handling independent parts of one request — never races.
type Scope struct {
	store    Flusher
	channel  *WorkChannel
	instance store.InstanceIdentity

	mu       sync.Mutex
	disposed bool

	outboxMessages []store.NewOutboxMessage
	inboxMessages  []store.NewInboxMessage

	outboxCompletions []store.MessageCompletion
	outboxFailures    []store.MessageFailure
	inboxCompletions  []store.MessageCompletion
	inboxFailures     []store.MessageFailure

	receptorCompletions []store.MessageCompletion
	receptorFailures    []store.MessageFailure

	perspectiveCompletions []store.CheckpointCompletion
	perspectiveFailures    []store.CheckpointFailure

	renewOutboxLeaseIDs []uuid.UUID
	renewInboxLeaseIDs  []uuid.UUID

	onFlushFailed             signals.Signal[FlushFailedEvent]
	onDisposeDeadlineExceeded signals.Signal[DisposeDeadlineExceededEvent]
}

// New returns a scope that flushes against st and hands returned work to
// channel under instance's identity. Most callers go through a Factory
// instead, so every scope in a process shares the same store, channel and
// instance identity without repeating them at every call site.
func New(st Flusher, channel *WorkChannel, instance store.InstanceIdentity) *Scope {
	return &Scope{
		store:                     st,
		channel:                   channel,
		instance:                  instance,
		onFlushFailed:             signals.NewSignal[FlushFailedEvent](),
		onDisposeDeadlineExceeded: signals.NewSignal[DisposeDeadlineExceededEvent](),
	}
}

func (s *Scope) OnFlushFailed() signals.Signal[FlushFailedEvent] { return s.onFlushFailed }
func (s *Scope) OnDisposeDeadlineExceeded() signals.Signal[DisposeDeadlineExceededEvent] {
	return s.onDisposeDeadlineExceeded
}

// QueueOutboxMessage appends a new locally produced message to be
// admitted on the next flush. O(1), never touches the database.
func (s *Scope) QueueOutboxMessage(m store.NewOutboxMessage) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.outboxMessages = append(s.outboxMessages, m)
}

// QueueInboxMessage appends a message received from a transport, to be
// admitted (dedup-gated) on the next flush.
func (s *Scope) QueueInboxMessage(m store.NewInboxMessage) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.inboxMessages = append(s.inboxMessages, m)
}

func (s *Scope) QueueOutboxCompletion(c store.MessageCompletion) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.outboxCompletions = append(s.outboxCompletions, c)
}

func (s *Scope) QueueOutboxFailure(f store.MessageFailure) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.outboxFailures = append(s.outboxFailures, f)
}

func (s *Scope) QueueInboxCompletion(c store.MessageCompletion) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.inboxCompletions = append(s.inboxCompletions, c)
}

func (s *Scope) QueueInboxFailure(f store.MessageFailure) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.inboxFailures = append(s.inboxFailures, f)
}

func (s *Scope) QueueReceptorCompletion(c store.MessageCompletion) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.receptorCompletions = append(s.receptorCompletions, c)
}

func (s *Scope) QueueReceptorFailure(f store.MessageFailure) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.receptorFailures = append(s.receptorFailures, f)
}

func (s *Scope) QueuePerspectiveCompletion(c store.CheckpointCompletion) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.perspectiveCompletions = append(s.perspectiveCompletions, c)
}

func (s *Scope) QueuePerspectiveFailure(f store.CheckpointFailure) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.perspectiveFailures = append(s.perspectiveFailures, f)
}

// QueueRenewOutboxLease and QueueRenewInboxLease ask the next flush to
// extend the lease on an id this scope is still working on — used by a
// worker that spans more than one flush while a transport send or
// receptor call is in flight.
func (s *Scope) QueueRenewOutboxLease(messageID uuid.UUID) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.renewOutboxLeaseIDs = append(s.renewOutboxLeaseIDs, messageID)
}

func (s *Scope) QueueRenewInboxLease(messageID uuid.UUID) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.renewInboxLeaseIDs = append(s.renewInboxLeaseIDs, messageID)
}

// empty reports whether every queue is empty, under lock.
func (s *Scope) empty() bool {
	return len(s.outboxMessages) == 0 && len(s.inboxMessages) == 0 &&
		len(s.outboxCompletions) == 0 && len(s.outboxFailures) == 0 &&
		len(s.inboxCompletions) == 0 && len(s.inboxFailures) == 0 &&
		len(s.receptorCompletions) == 0 && len(s.receptorFailures) == 0 &&
		len(s.perspectiveCompletions) == 0 && len(s.perspectiveFailures) == 0 &&
		len(s.renewOutboxLeaseIDs) == 0 && len(s.renewInboxLeaseIDs) == 0
}

// buildRequest snapshots every queue into a store.Request, under lock.
func (s *Scope) buildRequest(flags store.Flags) store.Request {
	return store.Request{
		Instance: s.instance,

		OutboxCompletions: s.outboxCompletions,
		OutboxFailures:    s.outboxFailures,
		InboxCompletions:  s.inboxCompletions,
		InboxFailures:     s.inboxFailures,

		ReceptorCompletions: s.receptorCompletions,
		ReceptorFailures:    s.receptorFailures,

		PerspectiveCompletions: s.perspectiveCompletions,
		PerspectiveFailures:    s.perspectiveFailures,

		NewOutboxMessages: s.outboxMessages,
		NewInboxMessages:  s.inboxMessages,

		RenewOutboxLeaseIDs: s.renewOutboxLeaseIDs,
		RenewInboxLeaseIDs:  s.renewInboxLeaseIDs,

		Flags: flags,
	}
}

// clear empties every queue, under lock. Only called once a flush has
// durably committed the snapshot it was built from.
func (s *Scope) clear() {
	s.outboxMessages = nil
	s.inboxMessages = nil
	s.outboxCompletions = nil
	s.outboxFailures = nil
	s.inboxCompletions = nil
	s.inboxFailures = nil
	s.receptorCompletions = nil
	s.receptorFailures = nil
	s.perspectiveCompletions = nil
	s.perspectiveFailures = nil
	s.renewOutboxLeaseIDs = nil
	s.renewInboxLeaseIDs = nil
}

// FlushAsync drains every queue into one ProcessWorkBatch call and writes
// every returned work item to the work channel before returning. If the
// call fails, every queue is left exactly as it was so a retried flush
// resends the same inputs — ProcessWorkBatch's OR-into-status completion
// discipline makes that safe. A flush of every-queue-empty still makes
// the call (a manual Flush always talks to the store); callers that want
// to skip an empty flush should check their own queues, or call
// DisposeAsync, which does this for them.
func (s *Scope) FlushAsync(ctx context.Context, flags store.Flags) error {
	s.mu.Lock()
	req := s.buildRequest(flags)
	s.mu.Unlock()

	resp, err := s.store.ProcessWorkBatch(ctx, req)
	if err != nil {
		s.onFlushFailed.Notify(FlushFailedEvent{Err: err})
		return err
	}

	s.mu.Lock()
	s.clear()
	s.mu.Unlock()

	return s.channel.publish(ctx, resp.WorkBatch)
}

// DisposeAsync is the normal commit point. If every queue is empty it is
// a no-op: a manual FlushAsync followed by a clean dispose incurs no
// second orchestrator call. Otherwise it flushes once. DisposeAsync is
// idempotent and safe to call more than once (e.g. from both a deferred
// cleanup and an explicit call on the happy path).
func (s *Scope) DisposeAsync(ctx context.Context) error {
	s.mu.Lock()
	if s.disposed {
		s.mu.Unlock()
		return nil
	}
	s.disposed = true
	empty := s.empty()
	s.mu.Unlock()

	if empty {
		return nil
	}

	err := s.FlushAsync(ctx, 0)
	if err != nil && ctx.Err() != nil {
		// The bounded dispose deadline passed mid-flush: drop what remains
		// queued rather than hold it past the scope's lifetime, and tell
		// any observer so an at-least-once caller can count the loss.
		s.mu.Lock()
		dropped := DisposeDeadlineExceededEvent{
			OutboxMessages: len(s.outboxMessages),
			InboxMessages:  len(s.inboxMessages),
			Completions:    len(s.outboxCompletions) + len(s.inboxCompletions) + len(s.receptorCompletions) + len(s.perspectiveCompletions),
			Failures:       len(s.outboxFailures) + len(s.inboxFailures) + len(s.receptorFailures) + len(s.perspectiveFailures),
		}
		s.clear()
		s.mu.Unlock()
		s.onDisposeDeadlineExceeded.Notify(dropped)
		return nil
	}
	return err
}

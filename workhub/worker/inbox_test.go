package worker

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/krew-solutions/workhub-go/workhub/batchscope"
	"github.com/krew-solutions/workhub-go/workhub/store"
)

func TestInboxDispatcher_SuccessfulReceptorQueuesDeliveredCompletion(t *testing.T) {
	messageID := uuid.New()
	fs := &fakeFlusher{resp: store.Response{WorkBatch: store.WorkBatch{
		InboxWork: []store.WorkItem{{MessageID: messageID}},
	}}}
	channel := batchscope.NewWorkChannel(8)
	scopes := batchscope.NewFactory(fs, channel)

	receptor := func(ctx context.Context, scope *batchscope.Scope, item store.WorkItem) error {
		return nil
	}
	d := NewInboxDispatcher(fs, scopes, receptor, store.InstanceIdentity{}, Options{})

	handed, err := d.poll(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, handed)

	require.Eventually(t, func() bool { return fs.callCount() >= 2 }, time.Second, time.Millisecond)

	completion := fs.lastCall().InboxCompletions
	require.Len(t, completion, 1)
	assert.Equal(t, messageID, completion[0].MessageID)
	assert.Equal(t, store.StatusDelivered|store.StatusReceptorProcessed, completion[0].CompletedStatus)
}

func TestInboxDispatcher_FailedReceptorQueuesFailure(t *testing.T) {
	messageID := uuid.New()
	fs := &fakeFlusher{resp: store.Response{WorkBatch: store.WorkBatch{
		InboxWork: []store.WorkItem{{MessageID: messageID}},
	}}}
	channel := batchscope.NewWorkChannel(8)
	scopes := batchscope.NewFactory(fs, channel)

	receptorErr := errors.New("handler blew up")
	receptor := func(ctx context.Context, scope *batchscope.Scope, item store.WorkItem) error {
		return receptorErr
	}
	d := NewInboxDispatcher(fs, scopes, receptor, store.InstanceIdentity{}, Options{})

	_, err := d.poll(context.Background())
	require.NoError(t, err)

	require.Eventually(t, func() bool { return fs.callCount() >= 2 }, time.Second, time.Millisecond)

	failure := fs.lastCall().InboxFailures
	require.Len(t, failure, 1)
	assert.Equal(t, messageID, failure[0].MessageID)
	assert.Equal(t, receptorErr.Error(), failure[0].Error)
}

func TestInboxDispatcher_ReceptorQueuedSideEffectsCommitWithOwnCompletion(t *testing.T) {
	messageID := uuid.New()
	fs := &fakeFlusher{resp: store.Response{WorkBatch: store.WorkBatch{
		InboxWork: []store.WorkItem{{MessageID: messageID}},
	}}}
	channel := batchscope.NewWorkChannel(8)
	scopes := batchscope.NewFactory(fs, channel)

	outboxMsg := store.NewOutboxMessage{MessageID: uuid.New()}
	receptor := func(ctx context.Context, scope *batchscope.Scope, item store.WorkItem) error {
		scope.QueueOutboxMessage(outboxMsg)
		return nil
	}
	d := NewInboxDispatcher(fs, scopes, receptor, store.InstanceIdentity{}, Options{})

	_, err := d.poll(context.Background())
	require.NoError(t, err)

	require.Eventually(t, func() bool { return fs.callCount() >= 2 }, time.Second, time.Millisecond)

	last := fs.lastCall()
	require.Len(t, last.NewOutboxMessages, 1)
	assert.Equal(t, outboxMsg.MessageID, last.NewOutboxMessages[0].MessageID)
	require.Len(t, last.InboxCompletions, 1)
}

func TestInboxDispatcher_DisposeFailureNotifies(t *testing.T) {
	messageID := uuid.New()
	fs := &fakeFlusher{resp: store.Response{WorkBatch: store.WorkBatch{
		InboxWork: []store.WorkItem{{MessageID: messageID}},
	}}, err: nil}

	// The first call (poll itself) must succeed so a message is claimed;
	// only the scope's own dispose flush should fail. Swap in an error
	// after the claim call.
	claiming := &sequencedFlusher{fakeFlusher: fs, failAfter: 1, failWith: errors.New("dispose flush failed")}
	channel := batchscope.NewWorkChannel(8)
	scopes := batchscope.NewFactory(claiming, channel)

	receptor := func(ctx context.Context, scope *batchscope.Scope, item store.WorkItem) error {
		return nil
	}
	d := NewInboxDispatcher(claiming, scopes, receptor, store.InstanceIdentity{}, Options{})

	var notified DisposeFailedEvent
	done := make(chan struct{})
	d.OnDisposeFailed().Attach(func(e DisposeFailedEvent) {
		notified = e
		close(done)
	})

	_, err := d.poll(context.Background())
	require.NoError(t, err)

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("expected OnDisposeFailed to fire")
	}
	assert.Equal(t, messageID, notified.MessageID)
}

// sequencedFlusher succeeds on its first N calls, then fails every call
// after, so a test can let the claim call through while forcing the
// scope's own flush-on-dispose to fail.
type sequencedFlusher struct {
	*fakeFlusher
	failAfter int
	failWith  error
}

func (s *sequencedFlusher) ProcessWorkBatch(ctx context.Context, req store.Request) (store.Response, error) {
	s.fakeFlusher.mu.Lock()
	n := len(s.fakeFlusher.calls)
	s.fakeFlusher.mu.Unlock()
	if n >= s.failAfter {
		s.fakeFlusher.mu.Lock()
		s.fakeFlusher.calls = append(s.fakeFlusher.calls, req)
		s.fakeFlusher.mu.Unlock()
		return store.Response{}, s.failWith
	}
	return s.fakeFlusher.ProcessWorkBatch(ctx, req)
}

package worker

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/google/uuid"

	"github.com/krew-solutions/workhub-go/workhub/batchscope"
	"github.com/krew-solutions/workhub-go/workhub/store"
)

// StreamEvent is one event loaded from the stream an EventReader serves.
type StreamEvent struct {
	EventID      uuid.UUID
	EnvelopeType string
	Payload      json.RawMessage
}

// EventReader loads the events of one stream that a perspective has not
// yet consumed. An external event store implements this; the core only
// needs events ordered oldest-first, strictly after afterEventID (nil
// meaning "from the beginning of the stream").
type EventReader interface {
	EventsSince(ctx context.Context, streamID uuid.UUID, afterEventID *uuid.UUID) ([]StreamEvent, error)
}

// ApplyKind is the sum-type result a Perspective's Apply returns: a
// perspective never throws to signal what changed, it returns which of
// four things happened.
type ApplyKind int

const (
	// ApplyNone means the event did not affect this perspective's state.
	ApplyNone ApplyKind = iota
	// ApplyUpdate means the perspective's row was created or modified.
	ApplyUpdate
	// ApplyDelete means the perspective's row for this stream was removed.
	ApplyDelete
	// ApplyPurge means every trace of this stream should be removed from
	// the perspective, including any history a soft-delete would retain.
	ApplyPurge
)

// ApplyResult is the outcome of one Perspective.Apply call.
type ApplyResult struct {
	Kind ApplyKind
}

// Perspective is the capability set a read-model projection exposes:
// apply one event to the stream's current projected state. How a
// perspective stores its own state is entirely its own concern; the
// runner only needs to know the projection ran and what kind of change
// resulted.
type Perspective interface {
	// Name identifies this perspective; it must match the perspective_name
	// a checkpoint row was claimed under.
	Name() string
	Apply(ctx context.Context, streamID uuid.UUID, event StreamEvent) (ApplyResult, error)
}

// PerspectiveRunner is the background worker wrapping the perspective
// half of ProcessWorkBatch: for each claimed checkpoint, load every event
// since LastProcessedEventId, apply it, and advance the cursor to the
// last event actually applied.
type PerspectiveRunner struct {
	store        batchscope.Flusher
	events       EventReader
	perspectives map[string]Perspective
	scopes       *batchscope.Factory
	instance     store.InstanceIdentity
	loop         *Loop
}

// NewPerspectiveRunner returns a runner that claims checkpoint work from
// st under instance's identity, reads events through reader, and applies
// them through whichever of perspectives matches the claimed
// perspective_name.
func NewPerspectiveRunner(st batchscope.Flusher, reader EventReader, perspectives []Perspective, scopes *batchscope.Factory, instance store.InstanceIdentity, opts Options) *PerspectiveRunner {
	byName := make(map[string]Perspective, len(perspectives))
	for _, p := range perspectives {
		byName[p.Name()] = p
	}
	r := &PerspectiveRunner{
		store:        st,
		events:       reader,
		perspectives: byName,
		scopes:       scopes,
		instance:     instance,
	}
	r.loop = NewLoop(opts, r.poll)
	return r
}

func (r *PerspectiveRunner) Loop() *Loop { return r.loop }

func (r *PerspectiveRunner) Run(ctx context.Context) error {
	return r.loop.Run(ctx)
}

func (r *PerspectiveRunner) poll(ctx context.Context) (int, error) {
	resp, err := r.store.ProcessWorkBatch(ctx, store.Request{Instance: r.instance})
	if err != nil {
		return 0, err
	}

	for _, item := range resp.PerspectiveWork {
		item := item
		go r.project(ctx, item)
	}
	return len(resp.PerspectiveWork), nil
}

func (r *PerspectiveRunner) project(ctx context.Context, item store.WorkItem) {
	scope := r.scopes.New(r.instance)
	defer func() {
		_ = scope.DisposeAsync(ctx)
	}()

	if item.StreamID == nil {
		scope.QueuePerspectiveFailure(store.CheckpointFailure{
			PerspectiveName: item.PerspectiveName,
			CompletedStatus: item.Status,
			Error:           "perspective checkpoint claimed with no stream_id",
		})
		return
	}

	perspective, ok := r.perspectives[item.PerspectiveName]
	if !ok {
		scope.QueuePerspectiveFailure(store.CheckpointFailure{
			StreamID:        *item.StreamID,
			PerspectiveName: item.PerspectiveName,
			CompletedStatus: item.Status,
			Error:           fmt.Sprintf("perspective %q not registered", item.PerspectiveName),
		})
		return
	}

	var afterEventID *uuid.UUID
	if item.MessageID != uuid.Nil {
		id := item.MessageID
		afterEventID = &id
	}

	events, err := r.events.EventsSince(ctx, *item.StreamID, afterEventID)
	if err != nil {
		scope.QueuePerspectiveFailure(store.CheckpointFailure{
			StreamID:        *item.StreamID,
			PerspectiveName: item.PerspectiveName,
			CompletedStatus: item.Status,
			Error:           err.Error(),
		})
		return
	}

	lastEventID := afterEventID
	for _, event := range events {
		if _, err := perspective.Apply(ctx, *item.StreamID, event); err != nil {
			scope.QueuePerspectiveFailure(store.CheckpointFailure{
				StreamID:        *item.StreamID,
				PerspectiveName: item.PerspectiveName,
				CompletedStatus: item.Status,
				Error:           err.Error(),
			})
			if lastEventID != afterEventID {
				// Advance the cursor to what did get applied before the
				// failure, so a retry resumes after it rather than
				// re-applying events this call already committed.
				scope.QueuePerspectiveCompletion(store.CheckpointCompletion{
					StreamID:        *item.StreamID,
					PerspectiveName: item.PerspectiveName,
					CompletedStatus: 0,
					LastEventID:     lastEventID,
				})
			}
			return
		}
		id := event.EventID
		lastEventID = &id
	}

	scope.QueuePerspectiveCompletion(store.CheckpointCompletion{
		StreamID:        *item.StreamID,
		PerspectiveName: item.PerspectiveName,
		CompletedStatus: store.StatusPerspectiveProcessedAsync,
		LastEventID:     lastEventID,
	})
}

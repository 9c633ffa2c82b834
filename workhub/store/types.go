// Package store is the single transactional entry point — ProcessWorkBatch
// — that every worker and scoped strategy calls against the shared
// Postgres tables: service instances, outbox, inbox, active streams,
// perspective checkpoints and message deduplication.
package store

import (
	"encoding/json"

	"github.com/google/uuid"
)

// Status is the pipeline-position bitmask recorded on outbox/inbox/
// perspective rows. Bits are ORed together as a message passes through
// more than one stage, so a completion never clobbers an earlier one.
type Status uint32

const (
	StatusStored                     Status = 1 << iota // row inserted, not yet acted on
	StatusPublished                                      // outbox: handed to transport
	StatusDelivered                                       // inbox: handed to local dispatch
	StatusReceptorProcessed                               // inbox: receptor ran
	StatusPerspectiveProcessedInline                      // perspective applied synchronously
	StatusPerspectiveProcessedAsync                       // perspective applied by the background runner
	StatusFailed                                          // terminal: set by every reported failure; there is no retry limit
)

// Flags controls ProcessWorkBatch's optional behaviors.
type Flags uint32

const (
	FlagDebugMode Flags = 1 << iota // accepted but not read by ProcessWorkBatch: completed rows are always kept, and no notices are emitted
	FlagSkipClaim                   // run every step except claiming new work
)

// Has reports whether f is set in flags.
func (fl Flags) Has(f Flags) bool { return fl&f != 0 }

// Source discriminates which table a WorkItem came from.
type Source string

const (
	SourceOutbox      Source = "outbox"
	SourceInbox       Source = "inbox"
	SourcePerspective Source = "perspective"
)

// InstanceIdentity is the heartbeat payload every ProcessWorkBatch call
// carries for its own instance.
type InstanceIdentity struct {
	InstanceID  uuid.UUID
	ServiceName string
	HostName    string
	ProcessID   int
	Metadata    json.RawMessage
}

// NewOutboxMessage admits a locally produced message destined for a
// transport.
type NewOutboxMessage struct {
	MessageID    uuid.UUID
	Destination  string
	EnvelopeType string
	EnvelopeData json.RawMessage
	Metadata     json.RawMessage
	Scope        string
	StreamID     *uuid.UUID
	IsEvent      bool
}

// NewInboxMessage admits a message received from a transport, to be
// dispatched to handler_name.
type NewInboxMessage struct {
	MessageID    uuid.UUID
	HandlerName  string
	EnvelopeType string
	EnvelopeData json.RawMessage
	Metadata     json.RawMessage
	Scope        string
	StreamID     *uuid.UUID
	IsEvent      bool
}

// MessageCompletion reports that message_id progressed to completedStatus.
// A zero CompletedStatus still clears the row's lease.
type MessageCompletion struct {
	MessageID       uuid.UUID
	CompletedStatus Status
}

// MessageFailure reports a terminal failure for message_id. It cascades:
// every later message in the same stream held by this instance is
// released so another instance can eventually pick it up.
type MessageFailure struct {
	MessageID       uuid.UUID
	CompletedStatus Status
	Error           string
}

// CheckpointCompletion/CheckpointFailure mirror MessageCompletion/
// MessageFailure for perspective checkpoints, keyed by (stream, perspective)
// instead of a message id.
type CheckpointCompletion struct {
	StreamID        uuid.UUID
	PerspectiveName string
	CompletedStatus Status
	LastEventID     *uuid.UUID
}

type CheckpointFailure struct {
	StreamID        uuid.UUID
	PerspectiveName string
	CompletedStatus Status
	Error           string
}

// WorkItem is one row this instance is now responsible for acting on.
type WorkItem struct {
	Source         Source
	MessageID      uuid.UUID
	StreamID       *uuid.UUID
	PartitionNumber *int
	EnvelopeType   string
	EnvelopeData   json.RawMessage
	Metadata       json.RawMessage
	Status         Status
	SequenceOrder  int64
	Destination    string // outbox only
	HandlerName    string // inbox only
	PerspectiveName string // perspective only
}

// WorkBatch is the return value of one ProcessWorkBatch call.
type WorkBatch struct {
	OutboxWork      []WorkItem
	InboxWork       []WorkItem
	PerspectiveWork []WorkItem
}

func (b WorkBatch) Empty() bool {
	return len(b.OutboxWork) == 0 && len(b.InboxWork) == 0 && len(b.PerspectiveWork) == 0
}

// Request bundles every ProcessWorkBatch input. Every slice field is
// optional; a nil slice is treated as empty, never as an error.
type Request struct {
	Instance InstanceIdentity

	OutboxCompletions []MessageCompletion
	OutboxFailures    []MessageFailure
	InboxCompletions  []MessageCompletion
	InboxFailures     []MessageFailure

	ReceptorCompletions []MessageCompletion
	ReceptorFailures    []MessageFailure

	PerspectiveCompletions []CheckpointCompletion
	PerspectiveFailures    []CheckpointFailure

	NewOutboxMessages []NewOutboxMessage
	NewInboxMessages  []NewInboxMessage

	RenewOutboxLeaseIDs []uuid.UUID
	RenewInboxLeaseIDs  []uuid.UUID

	Flags                  Flags
	PartitionCount         int
	MaxPartitionsPerInstance int
	LeaseSeconds           int
	StaleThresholdSeconds  int
	ClaimBatchSize         int
}

// Response is ProcessWorkBatch's full result: the work batch plus the ids
// of instances reaped as stale during this call, for the caller to log.
type Response struct {
	WorkBatch
	DeletedStaleInstanceIDs []uuid.UUID
}

// Package envelope wraps one message payload with its hop chain: the
// ordered record of every service instance that has touched the message,
// carrying correlation, causation, security and routing context.
//
// Attributes:
//
//	MessageID: time-ordered id minted once, at envelope creation.
//	Payload: the decoded event or command body.
//	Hops: append-only chain of Hop, oldest first. Once appended a hop is
//	    never mutated; AppendHop returns a new envelope value.
package envelope

import (
	"time"

	"github.com/google/uuid"

	"github.com/krew-solutions/workhub-go/workhub/ids"
)

// ServiceInstanceStamp identifies the process that recorded a Hop.
type ServiceInstanceStamp struct {
	ServiceName string
	InstanceID  uuid.UUID
	HostName    string
	ProcessID   int
}

// SecurityContext carries the identity a hop executed under. Both fields
// are optional: a system-initiated hop may carry neither.
type SecurityContext struct {
	UserID   *string
	TenantID *string
}

// CallerInfo records where in source a hop was recorded, for diagnostics.
type CallerInfo struct {
	Member string
	File   string
	Line   int
}

// Hop is one stamp in an envelope's chain. Topic, StreamKey,
// PartitionIndex, SequenceNumber, ExecutionStrategy, CorrelationID,
// CausationID, SecurityContext, Metadata, Trail, Caller and Duration are
// all optional: a nil/zero value means "not set at this hop", which is
// significant and distinct from an explicit empty value on the wire.
type Hop struct {
	ServiceInstance    ServiceInstanceStamp
	Timestamp          time.Time
	Topic              *string
	StreamKey          *string
	PartitionIndex     *int
	SequenceNumber     *int64
	ExecutionStrategy  *string
	CorrelationID      *uuid.UUID
	CausationID        *uuid.UUID
	SecurityContext    *SecurityContext
	Metadata           map[string]any
	Trail              []string
	Caller             *CallerInfo
	Duration           *time.Duration
}

// MessageEnvelope is immutable once constructed: AppendHop returns a new
// value with an extended chain rather than mutating Hops in place, so a
// reference held elsewhere never observes a hop it did not expect.
type MessageEnvelope struct {
	MessageID uuid.UUID
	Payload   any
	Hops      []Hop
}

// New creates an envelope around payload with a freshly minted MessageID
// and no hops. Use AppendHop to record the first hop.
func New(payload any) MessageEnvelope {
	return MessageEnvelope{
		MessageID: ids.New(),
		Payload:   payload,
	}
}

// AppendHop returns a copy of the envelope with hop appended to its chain.
// The receiver's Hops slice is left untouched.
func (e MessageEnvelope) AppendHop(hop Hop) MessageEnvelope {
	hops := make([]Hop, len(e.Hops), len(e.Hops)+1)
	copy(hops, e.Hops)
	hops = append(hops, hop)
	return MessageEnvelope{MessageID: e.MessageID, Payload: e.Payload, Hops: hops}
}

// FirstHop returns the oldest hop and true, or a zero Hop and false for an
// envelope with no recorded hops yet.
func (e MessageEnvelope) FirstHop() (Hop, bool) {
	if len(e.Hops) == 0 {
		return Hop{}, false
	}
	return e.Hops[0], true
}

// LastHop returns the most recently appended hop and true, or a zero Hop
// and false for an envelope with no recorded hops yet.
func (e MessageEnvelope) LastHop() (Hop, bool) {
	if len(e.Hops) == 0 {
		return Hop{}, false
	}
	return e.Hops[len(e.Hops)-1], true
}

// CorrelationID returns the correlation id shared by every message in the
// envelope's logical workflow. The first hop's correlation id is
// authoritative; later hops may carry a stale or absent value. Falls back
// to the envelope's own MessageID when no hop set one, so a root message
// correlates with itself.
func (e MessageEnvelope) CorrelationID() uuid.UUID {
	if hop, ok := e.FirstHop(); ok && hop.CorrelationID != nil {
		return *hop.CorrelationID
	}
	return e.MessageID
}

// CausationChain returns the ordered list of causation ids recorded across
// the hop chain, oldest first, skipping hops that recorded none.
func (e MessageEnvelope) CausationChain() []uuid.UUID {
	chain := make([]uuid.UUID, 0, len(e.Hops))
	for _, hop := range e.Hops {
		if hop.CausationID != nil {
			chain = append(chain, *hop.CausationID)
		}
	}
	return chain
}

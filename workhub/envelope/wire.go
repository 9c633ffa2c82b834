package envelope

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// wireServiceInstance mirrors ServiceInstanceStamp on the wire.
type wireServiceInstance struct {
	ServiceName string    `json:"serviceName"`
	InstanceID  uuid.UUID `json:"instanceId"`
	HostName    string    `json:"hostName"`
	ProcessID   int       `json:"processId"`
}

type wireSecurityContext struct {
	UserID   *string `json:"userId,omitempty"`
	TenantID *string `json:"tenantId,omitempty"`
}

type wireCaller struct {
	Member string `json:"member,omitempty"`
	File   string `json:"file,omitempty"`
	Line   int    `json:"line,omitempty"`
}

// wireHop mirrors Hop on the wire. Absent optional fields are omitted
// rather than serialized as null: the contract treats absence as "not set
// at this hop". A non-nil pointer field is written even when it points at
// an empty value; Metadata and Trail are omitted when empty, so an empty
// map or list decodes as unset.
type wireHop struct {
	ServiceInstance   wireServiceInstance  `json:"serviceInstance"`
	Timestamp         time.Time            `json:"timestamp"`
	Topic             *string              `json:"topic,omitempty"`
	StreamKey         *string              `json:"streamKey,omitempty"`
	PartitionIndex    *int                 `json:"partitionIndex,omitempty"`
	SequenceNumber    *int64               `json:"sequenceNumber,omitempty"`
	ExecutionStrategy *string              `json:"executionStrategy,omitempty"`
	CorrelationID     *uuid.UUID           `json:"correlationId,omitempty"`
	CausationID       *uuid.UUID           `json:"causationId,omitempty"`
	SecurityContext   *wireSecurityContext `json:"securityContext,omitempty"`
	Metadata          map[string]any       `json:"metadata,omitempty"`
	Trail             []string             `json:"trail,omitempty"`
	Caller            *wireCaller          `json:"caller,omitempty"`
	Duration          *float64             `json:"duration,omitempty"` // seconds
}

type wireEnvelope struct {
	MessageID uuid.UUID `json:"messageId"`
	Payload   any       `json:"payload"`
	Hops      []wireHop `json:"hops"`
}

func toWireHop(h Hop) wireHop {
	w := wireHop{
		ServiceInstance: wireServiceInstance{
			ServiceName: h.ServiceInstance.ServiceName,
			InstanceID:  h.ServiceInstance.InstanceID,
			HostName:    h.ServiceInstance.HostName,
			ProcessID:   h.ServiceInstance.ProcessID,
		},
		Timestamp:         h.Timestamp,
		Topic:             h.Topic,
		StreamKey:         h.StreamKey,
		PartitionIndex:    h.PartitionIndex,
		SequenceNumber:    h.SequenceNumber,
		ExecutionStrategy: h.ExecutionStrategy,
		CorrelationID:     h.CorrelationID,
		CausationID:       h.CausationID,
		Metadata:          h.Metadata,
		Trail:             h.Trail,
	}
	if h.SecurityContext != nil {
		w.SecurityContext = &wireSecurityContext{UserID: h.SecurityContext.UserID, TenantID: h.SecurityContext.TenantID}
	}
	if h.Caller != nil {
		w.Caller = &wireCaller{Member: h.Caller.Member, File: h.Caller.File, Line: h.Caller.Line}
	}
	if h.Duration != nil {
		seconds := h.Duration.Seconds()
		w.Duration = &seconds
	}
	return w
}

func fromWireHop(w wireHop) Hop {
	h := Hop{
		ServiceInstance: ServiceInstanceStamp{
			ServiceName: w.ServiceInstance.ServiceName,
			InstanceID:  w.ServiceInstance.InstanceID,
			HostName:    w.ServiceInstance.HostName,
			ProcessID:   w.ServiceInstance.ProcessID,
		},
		Timestamp:         w.Timestamp,
		Topic:             w.Topic,
		StreamKey:         w.StreamKey,
		PartitionIndex:    w.PartitionIndex,
		SequenceNumber:    w.SequenceNumber,
		ExecutionStrategy: w.ExecutionStrategy,
		CorrelationID:     w.CorrelationID,
		CausationID:       w.CausationID,
		Metadata:          w.Metadata,
		Trail:             w.Trail,
	}
	if w.SecurityContext != nil {
		h.SecurityContext = &SecurityContext{UserID: w.SecurityContext.UserID, TenantID: w.SecurityContext.TenantID}
	}
	if w.Caller != nil {
		h.Caller = &CallerInfo{Member: w.Caller.Member, File: w.Caller.File, Line: w.Caller.Line}
	}
	if w.Duration != nil {
		d := time.Duration(*w.Duration * float64(time.Second))
		h.Duration = &d
	}
	return h
}

// MarshalJSON encodes the envelope as {messageId, payload, hops}, each hop
// omitting any field that was never set.
func (e MessageEnvelope) MarshalJSON() ([]byte, error) {
	w := wireEnvelope{MessageID: e.MessageID, Payload: e.Payload, Hops: make([]wireHop, len(e.Hops))}
	for i, h := range e.Hops {
		w.Hops[i] = toWireHop(h)
	}
	return json.Marshal(w)
}

// UnmarshalJSON decodes the wire format produced by MarshalJSON.
func (e *MessageEnvelope) UnmarshalJSON(data []byte) error {
	var w wireEnvelope
	if err := json.Unmarshal(data, &w); err != nil {
		return err
	}
	e.MessageID = w.MessageID
	e.Payload = w.Payload
	e.Hops = make([]Hop, len(w.Hops))
	for i, h := range w.Hops {
		e.Hops[i] = fromWireHop(h)
	}
	return nil
}

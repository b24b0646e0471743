package events

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"time"
)

// Event is the canonical envelope for all lifecycle events.
type Event struct {
	// EventID is a globally unique, time-ordered event identifier.
	EventID EventID `json:"event_id"`

	// JobID is the fix job this event belongs to. Every event carries one;
	// verification loops started outside a pipeline run mint their own.
	JobID JobID `json:"job_id"`

	// EventType is the event type identifier (e.g. "vibefix.pipeline.started").
	EventType EventType `json:"event_type"`

	// SchemaVersion is the semantic version of the payload schema.
	SchemaVersion string `json:"schema_version"`

	// CreatedAt is the wall clock timestamp when the event was created.
	CreatedAt time.Time `json:"created_at"`

	// CausationID is the event that directly caused this one, if any.
	CausationID EventID `json:"causation_id,omitempty"`

	// CorrelationID is the root event of the job. Constant across a job.
	CorrelationID EventID `json:"correlation_id"`

	// Payload is the JSON-encoded event payload. Type determined by EventType.
	Payload json.RawMessage `json:"payload"`

	// PayloadChecksum is the SHA-256 checksum of the serialized payload.
	PayloadChecksum string `json:"payload_checksum"`

	// Source identifies the component that produced the event.
	Source string `json:"source,omitempty"`

	// Attributes are arbitrary key-value pairs for filtering and routing.
	Attributes map[string]string `json:"attributes,omitempty"`
}

// EventBuilder provides a fluent interface for constructing events.
type EventBuilder struct {
	event Event
	err   error
}

// NewEventBuilder creates a new event builder.
func NewEventBuilder() *EventBuilder {
	return &EventBuilder{
		event: Event{
			EventID:       NewEventID(),
			SchemaVersion: "1.0.0",
			CreatedAt:     time.Now().UTC(),
		},
	}
}

// WithJobID sets the job ID.
func (b *EventBuilder) WithJobID(id JobID) *EventBuilder {
	b.event.JobID = id
	return b
}

// WithEventType sets the event type.
func (b *EventBuilder) WithEventType(t EventType) *EventBuilder {
	b.event.EventType = t
	return b
}

// WithCausation sets the causation ID (the event that caused this one).
func (b *EventBuilder) WithCausation(id EventID) *EventBuilder {
	b.event.CausationID = id
	return b
}

// WithCorrelation sets the correlation ID (root event of the job).
func (b *EventBuilder) WithCorrelation(id EventID) *EventBuilder {
	b.event.CorrelationID = id
	return b
}

// WithSource sets the producing component.
func (b *EventBuilder) WithSource(source string) *EventBuilder {
	b.event.Source = source
	return b
}

// WithAttribute adds a routing attribute.
func (b *EventBuilder) WithAttribute(key, value string) *EventBuilder {
	if b.event.Attributes == nil {
		b.event.Attributes = make(map[string]string)
	}
	b.event.Attributes[key] = value
	return b
}

// WithPayload sets the event payload.
func (b *EventBuilder) WithPayload(payload any) *EventBuilder {
	if b.err != nil {
		return b
	}

	data, err := json.Marshal(payload)
	if err != nil {
		b.err = fmt.Errorf("marshal payload: %w", err)
		return b
	}

	b.event.Payload = data
	b.event.PayloadChecksum = computeChecksum(data)
	return b
}

// Build constructs the final event.
func (b *EventBuilder) Build() (*Event, error) {
	if b.err != nil {
		return nil, b.err
	}

	if b.event.JobID.IsZero() {
		return nil, fmt.Errorf("job ID is required")
	}
	if b.event.EventType == "" {
		return nil, fmt.Errorf("event type is required")
	}
	if b.event.CorrelationID.IsZero() {
		// Self-correlate root events.
		b.event.CorrelationID = b.event.EventID
	}
	if len(b.event.Payload) == 0 {
		return nil, fmt.Errorf("payload is required")
	}

	return &b.event, nil
}

// MustBuild constructs the event, panicking on error.
func (b *EventBuilder) MustBuild() *Event {
	e, err := b.Build()
	if err != nil {
		panic(err)
	}
	return e
}

// computeChecksum computes SHA-256 checksum of data.
func computeChecksum(data []byte) string {
	hash := sha256.Sum256(data)
	return hex.EncodeToString(hash[:])
}

// VerifyChecksum verifies the payload checksum.
func (e *Event) VerifyChecksum() bool {
	return e.PayloadChecksum == computeChecksum(e.Payload)
}

// UnmarshalPayload unmarshals the payload into the given type.
func (e *Event) UnmarshalPayload(v any) error {
	return json.Unmarshal(e.Payload, v)
}

// Key returns the partition key for this event.
func (e *Event) Key() string {
	return e.JobID.String()
}

// IsRoot returns true if this event starts its own causal chain.
func (e *Event) IsRoot() bool {
	return e.CorrelationID == e.EventID
}

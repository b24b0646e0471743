package events

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// JSONMap is a type alias for map[string]any used for JSON payloads.
type JSONMap = map[string]any

// QueueConfig defines configuration for a queue using Frame primitives.
// Queue URIs support multiple backends: mem://, nats://, kafka://
type QueueConfig struct {
	// Name is the queue/topic name used for registration.
	Name string `json:"name"`

	// URI is the queue connection URI.
	URI string `json:"uri"`

	// RetentionDuration is how long to retain messages.
	RetentionDuration time.Duration `json:"retention_duration"`

	// Description describes the queue purpose.
	Description string `json:"description,omitempty"`
}

// DefaultQueueConfigs returns the default queue configurations.
func DefaultQueueConfigs() []QueueConfig {
	return []QueueConfig{
		{
			Name:              "vibefix.job.events",
			URI:               "mem://vibefix.job.events",
			RetentionDuration: 7 * 24 * time.Hour,
			Description:       "Lifecycle events for fix jobs and verification loops",
		},
		{
			Name:              "vibefix.job.results",
			URI:               "mem://vibefix.job.results",
			RetentionDuration: 7 * 24 * time.Hour,
			Description:       "Terminal job outcomes for external consumers",
		},
	}
}

// FrameEventHandler defines the interface for Frame-compatible event handlers.
type FrameEventHandler interface {
	// Name returns the event type this handler consumes.
	Name() string

	// PayloadType returns a pointer to the expected payload type.
	PayloadType() any

	// Validate validates the payload before execution.
	Validate(ctx context.Context, payload any) error

	// Execute processes the event.
	Execute(ctx context.Context, payload any) error
}

// BaseEventHandler provides common functionality for event handlers.
type BaseEventHandler struct {
	name        string
	payloadType any
}

// NewBaseEventHandler creates a new base event handler.
func NewBaseEventHandler(name string, payloadType any) *BaseEventHandler {
	return &BaseEventHandler{
		name:        name,
		payloadType: payloadType,
	}
}

// Name returns the event handler name.
func (h *BaseEventHandler) Name() string {
	return h.name
}

// PayloadType returns the payload type.
func (h *BaseEventHandler) PayloadType() any {
	return h.payloadType
}

// FrameQueueHandler defines the interface for Frame queue subscribers.
// Implements queue.SubscribeWorker from Frame.
type FrameQueueHandler interface {
	Handle(ctx context.Context, headers map[string]string, payload []byte) error
}

// Dispatcher routes envelopes from a queue subscription to registered
// event handlers by event type. It implements FrameQueueHandler.
type Dispatcher struct {
	handlers map[EventType]FrameEventHandler
}

// NewDispatcher creates a dispatcher over the given handlers.
func NewDispatcher(handlers ...FrameEventHandler) *Dispatcher {
	d := &Dispatcher{handlers: make(map[EventType]FrameEventHandler, len(handlers))}
	for _, h := range handlers {
		d.handlers[EventType(h.Name())] = h
	}
	return d
}

// Register adds a handler after construction.
func (d *Dispatcher) Register(h FrameEventHandler) {
	d.handlers[EventType(h.Name())] = h
}

// Handle decodes a queue message into an envelope and dispatches it.
// Events with no registered handler are dropped silently so one consumer
// group can subscribe to a topic carrying a wider taxonomy.
func (d *Dispatcher) Handle(ctx context.Context, _ map[string]string, payload []byte) error {
	event, err := QueuePayloadToEvent(payload)
	if err != nil {
		return err
	}

	if !event.VerifyChecksum() {
		return fmt.Errorf("event %s: payload checksum mismatch", event.EventID)
	}

	handler, ok := d.handlers[event.EventType]
	if !ok {
		return nil
	}

	target := handler.PayloadType()
	if err = event.UnmarshalPayload(target); err != nil {
		return fmt.Errorf("event %s: unmarshal payload: %w", event.EventID, err)
	}

	if err = handler.Validate(ctx, target); err != nil {
		return fmt.Errorf("event %s: validate: %w", event.EventID, err)
	}

	return handler.Execute(ctx, target)
}

// EventToQueuePayload converts an event to a Frame queue payload.
func EventToQueuePayload(event *Event) (JSONMap, map[string]string, error) {
	payload := JSONMap{
		"event_id":         event.EventID.String(),
		"job_id":           event.JobID.String(),
		"event_type":       event.EventType.String(),
		"schema_version":   event.SchemaVersion,
		"created_at":       event.CreatedAt.Format(time.RFC3339Nano),
		"correlation_id":   event.CorrelationID.String(),
		"payload":          event.Payload,
		"payload_checksum": event.PayloadChecksum,
	}
	if !event.CausationID.IsZero() {
		payload["causation_id"] = event.CausationID.String()
	}
	if event.Source != "" {
		payload["source"] = event.Source
	}
	if len(event.Attributes) > 0 {
		payload["attributes"] = event.Attributes
	}

	headers := map[string]string{
		"event_type":     event.EventType.String(),
		"event_id":       event.EventID.String(),
		"job_id":         event.JobID.String(),
		"schema_version": event.SchemaVersion,
	}

	return payload, headers, nil
}

// QueuePayloadToEvent converts a Frame queue payload back to an event.
func QueuePayloadToEvent(payload []byte) (*Event, error) {
	var event Event
	if err := json.Unmarshal(payload, &event); err != nil {
		return nil, fmt.Errorf("unmarshal event: %w", err)
	}
	if event.EventID.IsZero() {
		return nil, errors.New("queue payload missing event_id")
	}
	return &event, nil
}

// EventEmitter wraps Frame's EventsManager for type-safe event emission.
type EventEmitter struct {
	// emitFunc is injected from Frame's svc.EventsManager().Emit
	emitFunc func(ctx context.Context, name string, payload any) error
}

// NewEventEmitter creates a new event emitter.
// Usage: emitter := NewEventEmitter(svc.EventsManager().Emit)
func NewEventEmitter(emitFunc func(ctx context.Context, name string, payload any) error) *EventEmitter {
	return &EventEmitter{emitFunc: emitFunc}
}

// Emit emits an internal event.
func (e *EventEmitter) Emit(ctx context.Context, eventName string, payload any) error {
	return e.emitFunc(ctx, eventName, payload)
}

// EmitWithType emits a typed event.
func (e *EventEmitter) EmitWithType(ctx context.Context, eventType EventType, payload any) error {
	return e.Emit(ctx, eventType.String(), payload)
}

// QueueEmitter publishes lifecycle events as full envelopes on a queue
// topic. It satisfies the Emitter surface the pipeline and verification
// loops consume, so the whole lifecycle rides one transport and any
// subscriber on the topic sees the same stream the journal does.
type QueueEmitter struct {
	publisher *QueuePublisher
	queueName string
	source    string
}

// NewQueueEmitter creates an emitter that wraps each event in an envelope
// and publishes it to queueName.
func NewQueueEmitter(publisher *QueuePublisher, queueName, source string) *QueueEmitter {
	return &QueueEmitter{publisher: publisher, queueName: queueName, source: source}
}

// EmitWithType wraps the payload in an envelope and publishes it.
func (e *QueueEmitter) EmitWithType(ctx context.Context, eventType EventType, payload any) error {
	event, err := NewEventBuilder().
		WithJobID(payloadJobID(payload)).
		WithEventType(eventType).
		WithSource(e.source).
		WithPayload(payload).
		Build()
	if err != nil {
		return fmt.Errorf("build %s envelope: %w", eventType, err)
	}
	return e.publisher.Publish(ctx, e.queueName, event)
}

// payloadJobID pulls the job id every lifecycle payload carries.
func payloadJobID(payload any) JobID {
	data, err := json.Marshal(payload)
	if err != nil {
		return JobID{}
	}
	var probe struct {
		JobID JobID `json:"job_id"`
	}
	_ = json.Unmarshal(data, &probe)
	return probe.JobID
}

// QueuePublisher wraps Frame's QueueManager for type-safe queue publishing.
type QueuePublisher struct {
	// publishFunc is injected from Frame's svc.QueueManager().Publish
	publishFunc func(ctx context.Context, queueName string, payload any, headers map[string]string) error
}

// NewQueuePublisher creates a new queue publisher.
// Usage: publisher := NewQueuePublisher(svc.QueueManager().Publish)
func NewQueuePublisher(publishFunc func(ctx context.Context, queueName string, payload any, headers map[string]string) error) *QueuePublisher {
	return &QueuePublisher{publishFunc: publishFunc}
}

// Publish publishes an event envelope to a queue.
func (p *QueuePublisher) Publish(ctx context.Context, queueName string, event *Event) error {
	payload, headers, err := EventToQueuePayload(event)
	if err != nil {
		return fmt.Errorf("convert event to payload: %w", err)
	}
	return p.publishFunc(ctx, queueName, payload, headers)
}

// PublishResult publishes a terminal job result to the results queue.
func (p *QueuePublisher) PublishResult(ctx context.Context, queueName string, result *JobResult) error {
	payload := JSONMap{
		"job_id":       result.JobID.String(),
		"status":       result.Status,
		"result":       result.Result,
		"completed_at": result.CompletedAt.Format(time.RFC3339Nano),
	}
	if result.Error != nil {
		payload["error"] = result.Error
	}

	headers := map[string]string{
		"job_id": result.JobID.String(),
		"status": string(result.Status),
	}

	return p.publishFunc(ctx, queueName, payload, headers)
}

// JobResult represents the terminal outcome of a fix job.
type JobResult struct {
	JobID       JobID          `json:"job_id"`
	Status      JobStatus      `json:"status"`
	Result      map[string]any `json:"result,omitempty"`
	CompletedAt time.Time      `json:"completed_at"`
	Error       *JobErrorInfo  `json:"error,omitempty"`
}

// JobStatus represents the terminal status of a fix job.
type JobStatus string

const (
	JobStatusCommitted JobStatus = "committed"
	JobStatusNoFix     JobStatus = "no_actionable_fix"
	JobStatusFailed    JobStatus = "failed"
)

// JobErrorInfo carries the error kind and message for failed jobs.
type JobErrorInfo struct {
	Kind    string `json:"kind"`
	Message string `json:"message"`
	Details any    `json:"details,omitempty"`
}

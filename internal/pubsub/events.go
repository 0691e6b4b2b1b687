package pubsub

const (
	CreatedEvent EventType = "created"
	UpdatedEvent EventType = "updated"
)

type (
	// EventType identifies the type of event
	EventType string

	// Event represents an event in the lifecycle of a jobq resource
	Event[T any] struct {
		Type    EventType
		Payload T
	}
)

func NewCreatedEvent[T any](payload T) Event[T] {
	return Event[T]{Type: CreatedEvent, Payload: payload}
}

func NewUpdatedEvent[T any](payload T) Event[T] {
	return Event[T]{Type: UpdatedEvent, Payload: payload}
}

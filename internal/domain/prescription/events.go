// Package prescription implements the prescription and patient aggregates and their events.
package prescription

import (
	"time"

	"github.com/google/uuid"
)

// EventType is the kind of a pharmacy lifecycle event
type EventType int

const (
	EventUnknown EventType = iota
	EventCreated
	EventFilled
	EventReturned
)

// ParseEventType maps a raw event name to an EventType.
// Matching is case-sensitive; anything else is EventUnknown.
func ParseEventType(name string) EventType {
	switch name {
	case "created":
		return EventCreated
	case "filled":
		return EventFilled
	case "returned":
		return EventReturned
	default:
		return EventUnknown
	}
}

// String returns the wire name of the event type
func (t EventType) String() string {
	switch t {
	case EventCreated:
		return "created"
	case EventFilled:
		return "filled"
	case EventReturned:
		return "returned"
	default:
		return "unknown"
	}
}

// Outcome describes what applying an event did to a prescription
type Outcome int

const (
	Applied Outcome = iota
	RejectedNotCreated
	RejectedNoFillToReturn
	Ignored
)

// String returns a label suitable for logs and metric labels
func (o Outcome) String() string {
	switch o {
	case Applied:
		return "applied"
	case RejectedNotCreated:
		return "rejected_not_created"
	case RejectedNoFillToReturn:
		return "rejected_no_fill_to_return"
	default:
		return "ignored"
	}
}

// Event is one applied (patient, drug, event) instruction as recorded in a batch journal
type Event struct {
	ID        string    `json:"id"`
	Sequence  int       `json:"sequence"`
	Patient   string    `json:"patient"`
	Drug      string    `json:"drug"`
	Name      string    `json:"event"`
	Type      EventType `json:"-"`
	Outcome   Outcome   `json:"-"`
	Timestamp time.Time `json:"timestamp"`
}

// NewEvent creates a journal entry for a raw event name
func NewEvent(sequence int, patient, drug, name string) *Event {
	return &Event{
		ID:        uuid.New().String(),
		Sequence:  sequence,
		Patient:   patient,
		Drug:      drug,
		Name:      name,
		Type:      ParseEventType(name),
		Timestamp: time.Now().UTC(),
	}
}

package prescription

import "testing"

func TestParseEventType(t *testing.T) {
	tests := map[string]EventType{
		"created":  EventCreated,
		"filled":   EventFilled,
		"returned": EventReturned,
		"Created":  EventUnknown,
		"FILLED":   EventUnknown,
		"refunded": EventUnknown,
		"":         EventUnknown,
	}
	for in, want := range tests {
		if got := ParseEventType(in); got != want {
			t.Errorf("ParseEventType(%q) = %v, want %v", in, got, want)
		}
	}
}

func TestEventTypeRoundTrip(t *testing.T) {
	for _, et := range []EventType{EventCreated, EventFilled, EventReturned} {
		if got := ParseEventType(et.String()); got != et {
			t.Errorf("ParseEventType(%q) = %v, want %v", et.String(), got, et)
		}
	}
}

func TestNewEvent(t *testing.T) {
	e := NewEvent(3, "John", "E", "returned")
	if e.ID == "" {
		t.Error("expected event ID")
	}
	if e.Sequence != 3 || e.Type != EventReturned {
		t.Errorf("got sequence=%d type=%v", e.Sequence, e.Type)
	}
	if e.Timestamp.IsZero() {
		t.Error("expected timestamp")
	}
}

// Package events delivers real-time notifications to connected dashboard
// clients over WebSocket.
package events

import "sync"

// Event names published by the engine and the API.
const (
	EventNewMessage           = "new-message"
	EventConversationUpdated  = "conversation-updated"
	EventTransferNotification = "transfer-notification"
	EventConnectionStatus     = "connection-status"
)

// Bus is the publishing surface the engine depends on. Emit broadcasts to all
// connected clients; EmitTo targets the sessions of a single user.
type Bus interface {
	Emit(event string, payload interface{})
	EmitTo(userID int64, event string, payload interface{})
}

// NopBus discards all events.
type NopBus struct{}

func (NopBus) Emit(event string, payload interface{}) {}

func (NopBus) EmitTo(userID int64, event string, payload interface{}) {}

// Recorder is a Bus for tests that captures emitted events.
type Recorder struct {
	mu     sync.Mutex
	events []Recorded
}

// Recorded is one captured event. UserID is 0 for broadcasts.
type Recorded struct {
	UserID  int64
	Event   string
	Payload interface{}
}

func NewRecorder() *Recorder {
	return &Recorder{}
}

func (r *Recorder) Emit(event string, payload interface{}) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, Recorded{Event: event, Payload: payload})
}

func (r *Recorder) EmitTo(userID int64, event string, payload interface{}) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, Recorded{UserID: userID, Event: event, Payload: payload})
}

// Events returns a copy of everything captured so far.
func (r *Recorder) Events() []Recorded {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Recorded, len(r.events))
	copy(out, r.events)
	return out
}

// ByName returns the captured events with the given name.
func (r *Recorder) ByName(event string) []Recorded {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []Recorded
	for _, e := range r.events {
		if e.Event == event {
			out = append(out, e)
		}
	}
	return out
}

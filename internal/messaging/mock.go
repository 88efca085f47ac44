package messaging

import (
	"context"
	"sync"

	"github.com/zapdesk/zapdesk/internal/models"
)

// MockService is an in-memory Service for tests. It records outbound messages
// and lets tests inject inbound ones.
type MockService struct {
	mu         sync.Mutex
	sent       []SentRecord
	messages   chan models.InboundMessage
	connEvents chan models.ConnectionEvent

	// SendErr, when set, is returned by SendMessage.
	SendErr error
}

// SentRecord is one outbound message captured by the mock.
type SentRecord struct {
	To   string
	Body string
}

func NewMockService() *MockService {
	return &MockService{
		messages:   make(chan models.InboundMessage, DefaultChannelBufferSize),
		connEvents: make(chan models.ConnectionEvent, DefaultChannelBufferSize),
	}
}

func (m *MockService) ValidateAndCanonicalizeRecipient(recipient string) (string, error) {
	return canonicalizePhone(recipient)
}

func (m *MockService) SendMessage(ctx context.Context, to string, body string) error {
	if m.SendErr != nil {
		return m.SendErr
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.sent = append(m.sent, SentRecord{To: to, Body: body})
	return nil
}

func (m *MockService) Start(ctx context.Context) error { return nil }
func (m *MockService) Stop() error                     { return nil }

func (m *MockService) Messages() <-chan models.InboundMessage {
	return m.messages
}

func (m *MockService) ConnectionEvents() <-chan models.ConnectionEvent {
	return m.connEvents
}

// Inject feeds an inbound message into the Messages channel.
func (m *MockService) Inject(msg models.InboundMessage) {
	m.messages <- msg
}

// Sent returns a copy of all captured outbound messages.
func (m *MockService) Sent() []SentRecord {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]SentRecord, len(m.sent))
	copy(out, m.sent)
	return out
}

// LastSent returns the most recent outbound message, or nil.
func (m *MockService) LastSent() *SentRecord {
	m.mu.Lock()
	defer m.mu.Unlock()
	if len(m.sent) == 0 {
		return nil
	}
	rec := m.sent[len(m.sent)-1]
	return &rec
}

package messaging

import (
	"context"
	"log/slog"
	"time"

	"github.com/zapdesk/zapdesk/internal/models"
	"github.com/zapdesk/zapdesk/internal/whatsapp"
	"go.mau.fi/whatsmeow/proto/waE2E"
	"go.mau.fi/whatsmeow/types/events"
)

// WhatsAppService implements Service using the Whatsmeow-based whatsapp client.
type WhatsAppService struct {
	client     whatsapp.Sender
	waClient   *whatsapp.Client // access to underlying client for event handling
	messages   chan models.InboundMessage
	connEvents chan models.ConnectionEvent
	done       chan struct{}
}

// NewWhatsAppService creates a new WhatsAppService wrapping the given Sender.
func NewWhatsAppService(client whatsapp.Sender) *WhatsAppService {
	service := &WhatsAppService{
		client:     client,
		messages:   make(chan models.InboundMessage, DefaultChannelBufferSize),
		connEvents: make(chan models.ConnectionEvent, DefaultChannelBufferSize),
		done:       make(chan struct{}),
	}

	// If the client is a full Client (not just an interface), store it for event handling
	if waClient, ok := client.(*whatsapp.Client); ok {
		service.waClient = waClient
		slog.Debug("WhatsAppService created with full client for event handling")
	} else {
		slog.Debug("WhatsAppService created with interface client (likely mock)")
	}

	return service
}

// ValidateAndCanonicalizeRecipient validates and canonicalizes a WhatsApp phone number.
// It removes all non-numeric characters and validates the result has at least 6 digits.
func (s *WhatsAppService) ValidateAndCanonicalizeRecipient(recipient string) (string, error) {
	canonical, err := canonicalizePhone(recipient)
	if err != nil {
		return "", err
	}
	if canonical != recipient {
		slog.Debug("WhatsAppService canonicalized recipient", "original", recipient, "canonical", canonical)
	}
	return canonical, nil
}

// Start begins background processing (e.g., event polling).
func (s *WhatsAppService) Start(ctx context.Context) error {
	slog.Debug("WhatsAppService Start invoked")

	if s.waClient != nil {
		slog.Debug("WhatsAppService starting event handler")
		go s.handleEvents(ctx)
		slog.Debug("WhatsAppService event handler started")
	} else {
		slog.Debug("WhatsAppService no full client available, skipping event handling (likely mock)")
	}

	return nil
}

// Stop stops background processing.
func (s *WhatsAppService) Stop() error {
	slog.Info("WhatsAppService Stop invoked")
	close(s.done)
	close(s.messages)
	close(s.connEvents)
	if s.waClient != nil {
		s.waClient.Disconnect()
	}
	slog.Info("WhatsAppService stopped and channels closed")
	return nil
}

// SendMessage sends a text message through the WhatsApp client.
func (s *WhatsAppService) SendMessage(ctx context.Context, to string, body string) error {
	canonicalTo, err := s.ValidateAndCanonicalizeRecipient(to)
	if err != nil {
		slog.Error("WhatsAppService SendMessage validation error", "error", err, "to", to)
		return err
	}
	slog.Debug("WhatsAppService SendMessage invoked", "to", canonicalTo, "body_length", len(body))
	if err := s.client.SendMessage(ctx, canonicalTo, body); err != nil {
		slog.Error("WhatsAppService SendMessage error", "error", err, "to", canonicalTo)
		return err
	}
	return nil
}

// Messages returns a channel of normalized inbound messages.
func (s *WhatsAppService) Messages() <-chan models.InboundMessage {
	return s.messages
}

// ConnectionEvents returns a channel of transport connectivity changes.
func (s *WhatsAppService) ConnectionEvents() <-chan models.ConnectionEvent {
	return s.connEvents
}

// handleEvents processes WhatsApp events and feeds them into the appropriate channels
func (s *WhatsAppService) handleEvents(ctx context.Context) {
	slog.Debug("WhatsAppService handleEvents starting")

	if s.waClient == nil || s.waClient.GetClient() == nil {
		slog.Error("WhatsAppService handleEvents: no client available")
		return
	}

	s.waClient.GetClient().AddEventHandler(func(evt interface{}) {
		switch v := evt.(type) {
		case *events.Message:
			s.handleIncomingMessage(v)
		case *events.Connected:
			s.emitConnectionEvent(models.ConnectionEvent{Status: "connected", Time: time.Now().Unix()})
		case *events.Disconnected:
			s.emitConnectionEvent(models.ConnectionEvent{Status: "disconnected", Time: time.Now().Unix()})
		case *events.LoggedOut:
			s.emitConnectionEvent(models.ConnectionEvent{Status: "logged_out", Time: time.Now().Unix()})
		default:
			// Ignore other event types
		}
	})

	slog.Debug("WhatsAppService event handler registered")

	// Keep handler running until context is cancelled
	<-ctx.Done()
	slog.Debug("WhatsAppService handleEvents stopping due to context cancellation")
}

// handleIncomingMessage normalizes an incoming message and forwards it.
// Group and broadcast messages are ignored; the engine only handles direct chats.
func (s *WhatsAppService) handleIncomingMessage(evt *events.Message) {
	if evt.Message == nil {
		return
	}
	if evt.Info.IsGroup {
		slog.Debug("WhatsAppService ignoring group message", "chat", evt.Info.Chat.String())
		return
	}

	body := extractText(evt.Message)
	hasMedia, mediaType := detectMedia(evt.Message)
	if body == "" && !hasMedia {
		slog.Debug("WhatsAppService ignoring message with no text or media", "from", evt.Info.Sender.String())
		return
	}

	msg := models.InboundMessage{
		From:       evt.Info.Sender.User,
		PushName:   evt.Info.PushName,
		Body:       body,
		Timestamp:  evt.Info.Timestamp.Unix(),
		IsFromSelf: evt.Info.IsFromMe,
		HasMedia:   hasMedia,
		MediaType:  mediaType,
	}
	if hasMedia {
		waMsg := evt.Message
		msg.Download = func() ([]byte, string, error) {
			return s.waClient.DownloadMedia(context.Background(), waMsg)
		}
	}

	slog.Debug("WhatsAppService processing incoming message", "from", msg.From, "body_length", len(msg.Body), "has_media", hasMedia)

	// Forward to messages channel (non-blocking)
	select {
	case s.messages <- msg:
		slog.Info("WhatsAppService incoming message forwarded", "from", msg.From)
	case <-time.After(DefaultChannelTimeout):
		slog.Warn("WhatsAppService messages channel blocked, dropping message", "from", msg.From, "timeout", DefaultChannelTimeout)
	}
}

func (s *WhatsAppService) emitConnectionEvent(evt models.ConnectionEvent) {
	select {
	case s.connEvents <- evt:
		slog.Debug("WhatsAppService connection event emitted", "status", evt.Status)
	case <-time.After(DefaultChannelTimeout):
		slog.Warn("WhatsAppService connection events channel blocked, dropping event", "status", evt.Status)
	}
}

// extractText pulls the text content out of a message, including media captions.
func extractText(msg *waE2E.Message) string {
	switch {
	case msg.Conversation != nil:
		return msg.GetConversation()
	case msg.ExtendedTextMessage != nil:
		return msg.ExtendedTextMessage.GetText()
	case msg.ImageMessage != nil:
		return msg.ImageMessage.GetCaption()
	case msg.VideoMessage != nil:
		return msg.VideoMessage.GetCaption()
	case msg.DocumentMessage != nil:
		return msg.DocumentMessage.GetCaption()
	default:
		return ""
	}
}

// detectMedia reports whether the message carries a downloadable payload and
// its broad category.
func detectMedia(msg *waE2E.Message) (bool, string) {
	switch {
	case msg.ImageMessage != nil:
		return true, "image"
	case msg.AudioMessage != nil:
		return true, "audio"
	case msg.VideoMessage != nil:
		return true, "video"
	case msg.DocumentMessage != nil:
		return true, "document"
	case msg.StickerMessage != nil:
		return true, "sticker"
	default:
		return false, ""
	}
}

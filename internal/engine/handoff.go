package engine

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/zapdesk/zapdesk/internal/events"
	"github.com/zapdesk/zapdesk/internal/messaging"
	"github.com/zapdesk/zapdesk/internal/models"
	"github.com/zapdesk/zapdesk/internal/store"
)

// Relay mode commands recognized from an agent in conversation mode.
const (
	RelayCommandClose = "!fechar"
	RelayCommandExit  = "!sair"
)

// User-facing transition messages.
const (
	welcomeMessageFmt = "Olá! Meu nome é %s e vou continuar o seu atendimento."
	goodbyeMessage    = "Atendimento encerrado. Obrigado pelo contato!"
)

// HandoffCoordinator manages agent takeover semantics: assigning and
// reassigning conversations, entering/exiting relay mode, and closing or
// reopening conversations. A new assignment implicitly invalidates any active
// flow session for the conversation.
type HandoffCoordinator struct {
	store    store.Store
	msg      messaging.Service
	bus      events.Bus
	sessions SessionStore
	relay    RelayStore
}

func NewHandoffCoordinator(st store.Store, msg messaging.Service, bus events.Bus, sessions SessionStore, relay RelayStore) *HandoffCoordinator {
	return &HandoffCoordinator{
		store:    st,
		msg:      msg,
		bus:      bus,
		sessions: sessions,
		relay:    relay,
	}
}

// Assume assigns the conversation to the agent, sends and persists the welcome
// message, enters relay mode for the agent, and notifies UIs. On reassignment
// the new assignee additionally gets a targeted transfer notification.
func (h *HandoffCoordinator) Assume(ctx context.Context, conversationID int64, agent *models.User) (*models.Conversation, error) {
	conv, err := h.store.GetConversation(conversationID)
	if err != nil {
		return nil, fmt.Errorf("failed to load conversation %d: %w", conversationID, err)
	}

	previous := conv.AssignedAgentID
	conv.Status = models.ConversationStatusOpen
	agentID := agent.ID
	conv.AssignedAgentID = &agentID
	if err := h.store.UpdateConversation(conv); err != nil {
		return nil, fmt.Errorf("failed to assign conversation %d: %w", conversationID, err)
	}

	// Any in-flight bot session must not act after assignment. The step
	// interpreter's ownership guard also covers this lazily.
	h.sessions.Delete(conv.Address)

	if agent.Address != "" {
		h.relay.Set(agent.Address, conv.Address)
	}

	welcome := fmt.Sprintf(welcomeMessageFmt, agent.Name)
	if err := h.sendAndPersist(ctx, conv, welcome); err != nil {
		slog.Error("handoff: welcome message failed", "error", err, "conversationID", conv.ID, "agentID", agent.ID)
	}

	h.bus.Emit(events.EventConversationUpdated, conv)
	if previous != nil && *previous != agent.ID {
		h.bus.EmitTo(agent.ID, events.EventTransferNotification, map[string]interface{}{
			"conversation_id": conv.ID,
			"address":         conv.Address,
		})
	}

	slog.Info("handoff: conversation assumed", "conversationID", conv.ID, "agentID", agent.ID, "reassigned", previous != nil)
	return conv, nil
}

// Close ends an agent-handled conversation: goodbye message, status closed,
// assignment cleared, relay entry removed.
func (h *HandoffCoordinator) Close(ctx context.Context, conversationID int64, agent *models.User) (*models.Conversation, error) {
	conv, err := h.store.GetConversation(conversationID)
	if err != nil {
		return nil, fmt.Errorf("failed to load conversation %d: %w", conversationID, err)
	}

	if err := h.sendAndPersist(ctx, conv, goodbyeMessage); err != nil {
		slog.Error("handoff: goodbye message failed", "error", err, "conversationID", conv.ID)
	}

	conv.Status = models.ConversationStatusClosed
	conv.AssignedAgentID = nil
	if err := h.store.UpdateConversation(conv); err != nil {
		return nil, fmt.Errorf("failed to close conversation %d: %w", conversationID, err)
	}

	if agent != nil && agent.Address != "" {
		h.relay.Delete(agent.Address)
	}
	h.sessions.Delete(conv.Address)

	h.bus.Emit(events.EventConversationUpdated, conv)
	slog.Info("handoff: conversation closed", "conversationID", conv.ID)
	return conv, nil
}

// Reopen flips a closed conversation back to open and unassigned, queueing it
// for a human.
func (h *HandoffCoordinator) Reopen(ctx context.Context, conversationID int64) (*models.Conversation, error) {
	conv, err := h.store.GetConversation(conversationID)
	if err != nil {
		return nil, fmt.Errorf("failed to load conversation %d: %w", conversationID, err)
	}
	conv.Status = models.ConversationStatusOpen
	conv.AssignedAgentID = nil
	if err := h.store.UpdateConversation(conv); err != nil {
		return nil, fmt.Errorf("failed to reopen conversation %d: %w", conversationID, err)
	}
	h.bus.Emit(events.EventConversationUpdated, conv)
	slog.Info("handoff: conversation reopened", "conversationID", conv.ID)
	return conv, nil
}

// ReturnToBot hands an unassigned conversation back to the bot.
func (h *HandoffCoordinator) ReturnToBot(conversationID int64) (*models.Conversation, error) {
	conv, err := h.store.GetConversation(conversationID)
	if err != nil {
		return nil, fmt.Errorf("failed to load conversation %d: %w", conversationID, err)
	}
	conv.Status = models.ConversationStatusBot
	conv.AssignedAgentID = nil
	if err := h.store.UpdateConversation(conv); err != nil {
		return nil, fmt.Errorf("failed to return conversation %d to bot: %w", conversationID, err)
	}
	h.bus.Emit(events.EventConversationUpdated, conv)
	return conv, nil
}

// sendAndPersist delivers a system/agent message to the customer and appends
// it to the conversation log. Send comes first: a message that could not be
// sent must not be persisted as sent.
func (h *HandoffCoordinator) sendAndPersist(ctx context.Context, conv *models.Conversation, body string) error {
	if body == "" {
		return nil
	}
	if err := h.msg.SendMessage(ctx, conv.Address, body); err != nil {
		return err
	}
	msg := &models.Message{
		ConversationID: conv.ID,
		Body:           body,
		Timestamp:      time.Now().Unix(),
		FromMe:         true,
		Status:         models.MessageStatusSent,
	}
	if err := h.store.AddMessage(msg); err != nil {
		return err
	}
	h.bus.Emit(events.EventNewMessage, msg)
	return nil
}

// Package api provides conversation handling handlers for ZapDesk endpoints:
// the inbox listing, message history, agent sends, and ownership transitions.
package api

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/zapdesk/zapdesk/internal/auth"
	"github.com/zapdesk/zapdesk/internal/events"
	"github.com/zapdesk/zapdesk/internal/models"
	"github.com/zapdesk/zapdesk/internal/store"
)

func (s *Server) listChatsHandler(w http.ResponseWriter, r *http.Request) {
	chats, err := s.st.ListConversations()
	if err != nil {
		slog.Error("Server.listChatsHandler: list failed", "error", err)
		writeJSONResponse(w, http.StatusInternalServerError, models.Error("Failed to list chats"))
		return
	}
	writeJSONResponse(w, http.StatusOK, models.Success(chats))
}

func (s *Server) listChatMessagesHandler(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r)
	if err != nil {
		writeJSONResponse(w, http.StatusBadRequest, models.Error("Invalid chat id"))
		return
	}
	if _, err := s.st.GetConversation(id); err != nil {
		writeJSONResponse(w, http.StatusNotFound, models.Error("Chat not found"))
		return
	}
	messages, err := s.st.ListMessages(id)
	if err != nil {
		slog.Error("Server.listChatMessagesHandler: list failed", "error", err, "chatID", id)
		writeJSONResponse(w, http.StatusInternalServerError, models.Error("Failed to list messages"))
		return
	}
	writeJSONResponse(w, http.StatusOK, models.Success(messages))
}

// sendChatMessageRequest is the POST /chats/{id}/messages body.
type sendChatMessageRequest struct {
	Body string `json:"body"`
}

// sendChatMessageHandler sends an operator-typed message to the customer and
// appends it to the conversation log.
func (s *Server) sendChatMessageHandler(w http.ResponseWriter, r *http.Request) {
	if r.Body != nil {
		defer r.Body.Close()
	}
	id, err := pathID(r)
	if err != nil {
		writeJSONResponse(w, http.StatusBadRequest, models.Error("Invalid chat id"))
		return
	}
	conv, err := s.st.GetConversation(id)
	if err != nil {
		writeJSONResponse(w, http.StatusNotFound, models.Error("Chat not found"))
		return
	}
	var req sendChatMessageRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSONResponse(w, http.StatusBadRequest, models.Error("Invalid JSON format"))
		return
	}
	if req.Body == "" {
		writeJSONResponse(w, http.StatusBadRequest, models.Error("Message body is required"))
		return
	}

	if err := s.msg.SendMessage(r.Context(), conv.Address, req.Body); err != nil {
		slog.Error("Server.sendChatMessageHandler: send failed", "error", err, "chatID", id)
		writeJSONResponse(w, http.StatusInternalServerError, models.Error("Failed to send message"))
		return
	}
	msg := &models.Message{
		ConversationID: conv.ID,
		Body:           req.Body,
		Timestamp:      time.Now().Unix(),
		FromMe:         true,
		Status:         models.MessageStatusSent,
	}
	if err := s.st.AddMessage(msg); err != nil {
		slog.Error("Server.sendChatMessageHandler: persist failed", "error", err, "chatID", id)
		writeJSONResponse(w, http.StatusInternalServerError, models.Error("Failed to persist message"))
		return
	}
	s.bus.Emit(events.EventNewMessage, msg)
	writeJSONResponse(w, http.StatusCreated, models.SuccessWithMessage("Message sent successfully", msg))
}

// assumeChatHandler puts the authenticated operator in charge of the chat.
func (s *Server) assumeChatHandler(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r)
	if err != nil {
		writeJSONResponse(w, http.StatusBadRequest, models.Error("Invalid chat id"))
		return
	}
	claims := auth.ClaimsFromContext(r.Context())
	agent, err := s.st.GetUser(claims.UserID)
	if err != nil {
		writeJSONResponse(w, http.StatusUnauthorized, models.Error("Unknown user"))
		return
	}
	conv, err := s.eng.Handoff().Assume(r.Context(), id, agent)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			writeJSONResponse(w, http.StatusNotFound, models.Error("Chat not found"))
			return
		}
		slog.Error("Server.assumeChatHandler: assume failed", "error", err, "chatID", id, "userID", agent.ID)
		writeJSONResponse(w, http.StatusInternalServerError, models.Error("Failed to assume chat"))
		return
	}
	writeJSONResponse(w, http.StatusOK, models.SuccessWithMessage("Chat assumed successfully", conv))
}

func (s *Server) closeChatHandler(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r)
	if err != nil {
		writeJSONResponse(w, http.StatusBadRequest, models.Error("Invalid chat id"))
		return
	}
	claims := auth.ClaimsFromContext(r.Context())
	agent, err := s.st.GetUser(claims.UserID)
	if err != nil {
		writeJSONResponse(w, http.StatusUnauthorized, models.Error("Unknown user"))
		return
	}
	conv, err := s.eng.Handoff().Close(r.Context(), id, agent)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			writeJSONResponse(w, http.StatusNotFound, models.Error("Chat not found"))
			return
		}
		slog.Error("Server.closeChatHandler: close failed", "error", err, "chatID", id)
		writeJSONResponse(w, http.StatusInternalServerError, models.Error("Failed to close chat"))
		return
	}
	writeJSONResponse(w, http.StatusOK, models.SuccessWithMessage("Chat closed successfully", conv))
}

func (s *Server) reopenChatHandler(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r)
	if err != nil {
		writeJSONResponse(w, http.StatusBadRequest, models.Error("Invalid chat id"))
		return
	}
	conv, err := s.eng.Handoff().Reopen(r.Context(), id)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			writeJSONResponse(w, http.StatusNotFound, models.Error("Chat not found"))
			return
		}
		slog.Error("Server.reopenChatHandler: reopen failed", "error", err, "chatID", id)
		writeJSONResponse(w, http.StatusInternalServerError, models.Error("Failed to reopen chat"))
		return
	}
	writeJSONResponse(w, http.StatusOK, models.SuccessWithMessage("Chat reopened successfully", conv))
}

// returnToBotHandler hands the chat back to the flow engine.
func (s *Server) returnToBotHandler(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r)
	if err != nil {
		writeJSONResponse(w, http.StatusBadRequest, models.Error("Invalid chat id"))
		return
	}
	conv, err := s.eng.Handoff().ReturnToBot(id)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			writeJSONResponse(w, http.StatusNotFound, models.Error("Chat not found"))
			return
		}
		slog.Error("Server.returnToBotHandler: return failed", "error", err, "chatID", id)
		writeJSONResponse(w, http.StatusInternalServerError, models.Error("Failed to return chat to self-service"))
		return
	}
	writeJSONResponse(w, http.StatusOK, models.SuccessWithMessage("Chat returned to self-service", conv))
}

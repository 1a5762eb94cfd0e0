package handlers

import (
	"errors"
	"log"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/jackc/pgx/v5"

	"researchbot-backend/internal/middleware"
	"researchbot-backend/internal/models"
)

type ConversationHandler struct {
	conversations conversationStore
	messages      messageStore
}

func NewConversationHandler(conversations conversationStore, messages messageStore) *ConversationHandler {
	return &ConversationHandler{conversations: conversations, messages: messages}
}

// GetMessages returns a conversation's messages oldest first. A conversation
// the store has never seen yields an empty list, not a 404, so the client can
// open a fresh thread under a self-chosen id.
func (h *ConversationHandler) GetMessages(w http.ResponseWriter, r *http.Request) {
	userID := middleware.GetUserID(r.Context())

	conversationID := chi.URLParam(r, "id")
	if conversationID == "" {
		writeJSON(w, http.StatusBadRequest, errorResp("Conversation ID is required"))
		return
	}

	conversation, err := h.conversations.GetByID(r.Context(), conversationID)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			writeJSON(w, http.StatusOK, models.MessagesResponse{Messages: []models.ChatMessage{}})
			return
		}
		log.Printf("Conversations: lookup failed: %v", err)
		writeJSON(w, http.StatusInternalServerError, errorResp("Internal server error"))
		return
	}

	if conversation.UserID != userID {
		writeJSON(w, http.StatusForbidden, errorResp("Access denied"))
		return
	}

	messages, err := h.messages.ListByConversation(r.Context(), conversationID)
	if err != nil {
		log.Printf("Conversations: message listing failed: %v", err)
		writeJSON(w, http.StatusInternalServerError, errorResp("Internal server error"))
		return
	}

	writeJSON(w, http.StatusOK, models.MessagesResponse{Messages: messages})
}

// List returns the caller's conversations, newest first.
func (h *ConversationHandler) List(w http.ResponseWriter, r *http.Request) {
	userID := middleware.GetUserID(r.Context())

	conversations, err := h.conversations.ListByUser(r.Context(), userID)
	if err != nil {
		log.Printf("Conversations: listing failed: %v", err)
		writeJSON(w, http.StatusInternalServerError, errorResp("Internal server error"))
		return
	}

	writeJSON(w, http.StatusOK, models.ConversationsResponse{Conversations: conversations})
}

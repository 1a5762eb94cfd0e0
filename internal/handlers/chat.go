package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"

	"researchbot-backend/internal/middleware"
	"researchbot-backend/internal/models"
	"researchbot-backend/internal/repository"
	"researchbot-backend/internal/services"
)

// Narrow store interfaces so tests can substitute fakes.

type conversationStore interface {
	FindOrCreate(ctx context.Context, id string, userID uuid.UUID) (*models.Conversation, bool, error)
	GetByID(ctx context.Context, id string) (*models.Conversation, error)
	ListByUser(ctx context.Context, userID uuid.UUID) ([]models.Conversation, error)
}

type messageStore interface {
	Create(ctx context.Context, m *models.ChatMessage) error
	ListByConversation(ctx context.Context, conversationID string) ([]models.ChatMessage, error)
}

type chatProvider interface {
	StreamChat(ctx context.Context, history []models.HistoryEntry, prompt string) (services.TokenStream, error)
}

type chatEvents interface {
	PublishUpdate(ctx context.Context, userID uuid.UUID, msg models.WSMessage)
	EnqueueTitleJob(ctx context.Context, job models.TitleJob) error
}

type ChatHandler struct {
	conversations conversationStore
	messages      messageStore
	provider      chatProvider
	events        chatEvents
}

func NewChatHandler(conversations conversationStore, messages messageStore, provider chatProvider, events chatEvents) *ChatHandler {
	return &ChatHandler{
		conversations: conversations,
		messages:      messages,
		provider:      provider,
		events:        events,
	}
}

// SubmitPrompt runs one prompt/response cycle: it resolves the conversation,
// persists the user's message, forwards the history to the provider, relays
// the streamed answer while accumulating it, and persists the accumulated
// assistant message once the stream ends.
func (h *ChatHandler) SubmitPrompt(w http.ResponseWriter, r *http.Request) {
	userID := middleware.GetUserID(r.Context())
	if userID == uuid.Nil {
		writeJSON(w, http.StatusUnauthorized, errorResp("Authentication required"))
		return
	}

	var req models.PromptRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, errorResp("Invalid request body"))
		return
	}

	if strings.TrimSpace(req.Prompt) == "" {
		writeJSON(w, http.StatusBadRequest, errorResp("Prompt is required and must be a non-empty string"))
		return
	}

	if req.ConversationID == "" {
		writeJSON(w, http.StatusBadRequest, errorResp("Conversation ID is required"))
		return
	}

	conversation, created, err := h.conversations.FindOrCreate(r.Context(), req.ConversationID, userID)
	if err != nil {
		if errors.Is(err, repository.ErrConversationOwned) {
			writeJSON(w, http.StatusForbidden, errorResp("Access denied"))
			return
		}
		log.Printf("Chat: conversation resolution failed: %v", err)
		writeJSON(w, http.StatusInternalServerError, errorResp("Internal server error"))
		return
	}

	// Persist the user's message before contacting the provider so the turn
	// is durable even if the upstream call fails.
	userMessage := &models.ChatMessage{
		ConversationID: conversation.ID,
		UserID:         userID,
		Sender:         models.SenderUser,
		Content:        req.Prompt,
	}
	if err := h.messages.Create(r.Context(), userMessage); err != nil {
		log.Printf("Chat: failed to persist user message: %v", err)
		writeJSON(w, http.StatusInternalServerError, errorResp("Internal server error"))
		return
	}

	// The upstream read is detached from the request context: a client that
	// disconnects mid-stream must not abort the read, or the accumulated
	// answer would be lost. The timeout bounds how long a slot is held.
	streamCtx, cancel := context.WithTimeout(context.WithoutCancel(r.Context()), 5*time.Minute)
	defer cancel()

	stream, err := h.provider.StreamChat(streamCtx, req.History, req.Prompt)
	if err != nil {
		var upstream *services.UpstreamError
		if errors.As(err, &upstream) {
			status := upstream.StatusCode
			if status == 0 {
				status = http.StatusBadGateway
			}
			writeJSON(w, status, errorResp(upstream.Message))
			return
		}
		log.Printf("Chat: upstream call failed: %v", err)
		writeJSON(w, http.StatusInternalServerError, errorResp("Failed to get AI response"))
		return
	}
	defer stream.Close()

	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.Header().Set("X-Conversation-Id", conversation.ID)
	w.WriteHeader(http.StatusOK)

	flusher, _ := w.(http.Flusher)

	// Single cooperative loop: read one fragment, forward it, append it to
	// the accumulator. A failed client write stops forwarding but never the
	// read, so the full answer still gets persisted.
	var full strings.Builder
	clientGone := false
	for {
		chunk, err := stream.Recv()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			// Indistinguishable from a short-but-complete answer at this
			// point; keep whatever arrived.
			log.Printf("Chat: upstream stream interrupted: %v", err)
			break
		}
		if chunk == "" {
			continue
		}

		full.WriteString(chunk)
		if !clientGone {
			if _, werr := w.Write([]byte(chunk)); werr != nil {
				clientGone = true
			} else if flusher != nil {
				flusher.Flush()
			}
		}
	}

	// The response status is already committed; from here failures are
	// logged, never surfaced.
	persistCtx, cancelPersist := context.WithTimeout(context.WithoutCancel(r.Context()), 10*time.Second)
	defer cancelPersist()

	aiMessage := &models.ChatMessage{
		ConversationID: conversation.ID,
		UserID:         userID,
		Sender:         models.SenderAI,
		Content:        full.String(),
	}
	if err := h.messages.Create(persistCtx, aiMessage); err != nil {
		log.Printf("Chat: failed to persist assistant message for conversation %s: %v", conversation.ID, err)
		return
	}

	if h.events != nil {
		h.events.PublishUpdate(persistCtx, userID, models.WSMessage{
			Type:    "conversation_updated",
			Payload: models.ConversationUpdate{ConversationID: conversation.ID},
		})
		if created {
			if err := h.events.EnqueueTitleJob(persistCtx, models.TitleJob{
				ConversationID: conversation.ID,
				UserID:         userID,
				Prompt:         req.Prompt,
			}); err != nil {
				log.Printf("Chat: failed to enqueue title job for conversation %s: %v", conversation.ID, err)
			}
		}
	}
}

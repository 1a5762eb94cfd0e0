package handlers

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"researchbot-backend/internal/middleware"
	"researchbot-backend/internal/models"
)

func conversationRouter(h *ConversationHandler) http.Handler {
	r := chi.NewRouter()
	r.Get("/api/v1/conversations", h.List)
	r.Get("/api/v1/conversations/{id}/messages", h.GetMessages)
	return r
}

func authedGet(t *testing.T, url string, userID uuid.UUID) *http.Request {
	t.Helper()

	req := httptest.NewRequest(http.MethodGet, url, nil)
	return req.WithContext(context.WithValue(req.Context(), middleware.UserIDKey, userID))
}

func TestGetMessages_UnknownConversationReturnsEmptyList(t *testing.T) {
	h := NewConversationHandler(newFakeConversationStore(), &fakeMessageStore{})
	router := conversationRouter(h)

	req := authedGet(t, "/api/v1/conversations/unknown/messages", uuid.New())
	rr := httptest.NewRecorder()
	router.ServeHTTP(rr, req)

	if rr.Code != http.StatusOK {
		t.Fatalf("Expected status 200 for unknown conversation, got %d", rr.Code)
	}

	var resp models.MessagesResponse
	if err := json.NewDecoder(rr.Body).Decode(&resp); err != nil {
		t.Fatalf("Failed to decode response: %v", err)
	}
	if resp.Messages == nil {
		t.Error("Expected empty list, got null")
	}
	if len(resp.Messages) != 0 {
		t.Errorf("Expected 0 messages, got %d", len(resp.Messages))
	}
}

func TestGetMessages_OrderedOldestFirst(t *testing.T) {
	userID := uuid.New()
	conversations := newFakeConversationStore()
	conversations.conversations["c1"] = &models.Conversation{ID: "c1", UserID: userID, CreatedAt: time.Now()}

	messages := &fakeMessageStore{}
	for _, m := range []models.ChatMessage{
		{ConversationID: "c1", UserID: userID, Sender: models.SenderUser, Content: "Hello"},
		{ConversationID: "c1", UserID: userID, Sender: models.SenderAI, Content: "Hi there"},
		{ConversationID: "c2", UserID: userID, Sender: models.SenderUser, Content: "Other thread"},
	} {
		msg := m
		if err := messages.Create(context.Background(), &msg); err != nil {
			t.Fatalf("Failed to seed message: %v", err)
		}
	}

	h := NewConversationHandler(conversations, messages)
	router := conversationRouter(h)

	req := authedGet(t, "/api/v1/conversations/c1/messages", userID)
	rr := httptest.NewRecorder()
	router.ServeHTTP(rr, req)

	if rr.Code != http.StatusOK {
		t.Fatalf("Expected status 200, got %d", rr.Code)
	}

	var resp models.MessagesResponse
	if err := json.NewDecoder(rr.Body).Decode(&resp); err != nil {
		t.Fatalf("Failed to decode response: %v", err)
	}
	if len(resp.Messages) != 2 {
		t.Fatalf("Expected 2 messages, got %d", len(resp.Messages))
	}
	if resp.Messages[0].Content != "Hello" || resp.Messages[1].Content != "Hi there" {
		t.Errorf("Messages out of order: %q then %q", resp.Messages[0].Content, resp.Messages[1].Content)
	}
}

func TestGetMessages_CrossOwnerDenied(t *testing.T) {
	owner := uuid.New()
	conversations := newFakeConversationStore()
	conversations.conversations["c1"] = &models.Conversation{ID: "c1", UserID: owner}

	h := NewConversationHandler(conversations, &fakeMessageStore{})
	router := conversationRouter(h)

	req := authedGet(t, "/api/v1/conversations/c1/messages", uuid.New())
	rr := httptest.NewRecorder()
	router.ServeHTTP(rr, req)

	if rr.Code != http.StatusForbidden {
		t.Fatalf("Expected status 403, got %d", rr.Code)
	}
}

func TestListConversations(t *testing.T) {
	userID := uuid.New()
	conversations := newFakeConversationStore()
	conversations.conversations["c1"] = &models.Conversation{ID: "c1", UserID: userID}
	conversations.conversations["c2"] = &models.Conversation{ID: "c2", UserID: uuid.New()}

	h := NewConversationHandler(conversations, &fakeMessageStore{})
	router := conversationRouter(h)

	req := authedGet(t, "/api/v1/conversations", userID)
	rr := httptest.NewRecorder()
	router.ServeHTTP(rr, req)

	if rr.Code != http.StatusOK {
		t.Fatalf("Expected status 200, got %d", rr.Code)
	}

	var resp models.ConversationsResponse
	if err := json.NewDecoder(rr.Body).Decode(&resp); err != nil {
		t.Fatalf("Failed to decode response: %v", err)
	}
	if len(resp.Conversations) != 1 || resp.Conversations[0].ID != "c1" {
		t.Errorf("Expected only the caller's conversation, got %+v", resp.Conversations)
	}
}

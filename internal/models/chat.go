package models

import (
	"time"

	"github.com/google/uuid"
)

// Message sender roles. The set is closed.
const (
	SenderUser = "user"
	SenderAI   = "ai"
)

// Conversation is a durable, user-owned thread of chat messages. The id is
// chosen by the client, so a retry with the same id resolves to the same row.
type Conversation struct {
	ID        string    `json:"id"`
	UserID    uuid.UUID `json:"-"`
	Title     *string   `json:"title"`
	CreatedAt time.Time `json:"createdAt"`
}

// ChatMessage is one persisted side of a conversation turn. Messages are
// append-only and ordered by creation time within their conversation.
type ChatMessage struct {
	ID             uuid.UUID `json:"id"`
	ConversationID string    `json:"conversationId"`
	UserID         uuid.UUID `json:"-"`
	Sender         string    `json:"sender"`
	Content        string    `json:"content"`
	CreatedAt      time.Time `json:"createdAt"`
}

// HistoryEntry is a prior message as the client holds it. Only sender and
// content matter; the relay forwards them to the provider verbatim.
type HistoryEntry struct {
	Sender  string `json:"sender"`
	Content string `json:"content"`
}

// PromptRequest is the payload sent to the chat endpoint.
type PromptRequest struct {
	Prompt         string         `json:"prompt"`
	ConversationID string         `json:"conversationId"`
	History        []HistoryEntry `json:"history"`
}

// MessagesResponse wraps a conversation's ordered message list.
type MessagesResponse struct {
	Messages []ChatMessage `json:"messages"`
}

// ConversationsResponse wraps the caller's conversation list.
type ConversationsResponse struct {
	Conversations []Conversation `json:"conversations"`
}

// ErrorResponse is the flat error body returned by every failing endpoint.
type ErrorResponse struct {
	Error string `json:"error"`
}

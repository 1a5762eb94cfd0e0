package models

import "github.com/google/uuid"

// WSMessage is the envelope pushed to connected websocket clients.
type WSMessage struct {
	Type    string      `json:"type"`
	Payload interface{} `json:"payload"`
}

// ConversationUpdate notifies a user's other sessions that a conversation
// gained a completed assistant turn or a generated title.
type ConversationUpdate struct {
	ConversationID string  `json:"conversation_id"`
	Title          *string `json:"title,omitempty"`
}

// TitleJob is queued when a conversation is created so a worker can name it
// from the opening prompt.
type TitleJob struct {
	ConversationID string    `json:"conversation_id"`
	UserID         uuid.UUID `json:"user_id"`
	Prompt         string    `json:"prompt"`
}

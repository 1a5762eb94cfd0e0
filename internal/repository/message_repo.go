package repository

import (
	"context"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"

	"researchbot-backend/internal/models"
)

type MessageRepo struct {
	pool *pgxpool.Pool
}

func NewMessageRepo(pool *pgxpool.Pool) *MessageRepo {
	return &MessageRepo{pool: pool}
}

// Create appends a message to its conversation. Messages are never updated
// or deleted afterwards.
func (r *MessageRepo) Create(ctx context.Context, m *models.ChatMessage) error {
	m.ID = uuid.New()

	query := `INSERT INTO messages (id, conversation_id, user_id, sender, content)
		VALUES ($1, $2, $3, $4, $5) RETURNING created_at`

	return r.pool.QueryRow(ctx, query,
		m.ID, m.ConversationID, m.UserID, m.Sender, m.Content,
	).Scan(&m.CreatedAt)
}

// ListByConversation returns the conversation's messages oldest first.
func (r *MessageRepo) ListByConversation(ctx context.Context, conversationID string) ([]models.ChatMessage, error) {
	query := `SELECT id, conversation_id, user_id, sender, content, created_at
		FROM messages WHERE conversation_id = $1 ORDER BY created_at ASC, id ASC`

	rows, err := r.pool.Query(ctx, query, conversationID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	messages := []models.ChatMessage{}
	for rows.Next() {
		var m models.ChatMessage
		err := rows.Scan(&m.ID, &m.ConversationID, &m.UserID, &m.Sender, &m.Content, &m.CreatedAt)
		if err != nil {
			return nil, err
		}
		messages = append(messages, m)
	}
	return messages, rows.Err()
}

package repository

import (
	"context"
	"errors"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"

	"researchbot-backend/internal/models"
)

// ErrConversationOwned is returned when the requested conversation id already
// exists but belongs to a different user.
var ErrConversationOwned = errors.New("conversation belongs to another user")

type ConversationRepo struct {
	pool *pgxpool.Pool
}

func NewConversationRepo(pool *pgxpool.Pool) *ConversationRepo {
	return &ConversationRepo{pool: pool}
}

// FindOrCreate resolves the conversation with the client-chosen id, creating
// it for userID if absent. The insert-if-absent is a single statement so
// concurrent submissions with the same id cannot race into duplicates.
// Returns created=true when this call inserted the row.
func (r *ConversationRepo) FindOrCreate(ctx context.Context, id string, userID uuid.UUID) (*models.Conversation, bool, error) {
	tag, err := r.pool.Exec(ctx,
		"INSERT INTO conversations (id, user_id) VALUES ($1, $2) ON CONFLICT (id) DO NOTHING",
		id, userID,
	)
	if err != nil {
		return nil, false, err
	}
	created := tag.RowsAffected() == 1

	conv := &models.Conversation{}
	err = r.pool.QueryRow(ctx,
		"SELECT id, user_id, title, created_at FROM conversations WHERE id = $1",
		id,
	).Scan(&conv.ID, &conv.UserID, &conv.Title, &conv.CreatedAt)
	if err != nil {
		return nil, false, err
	}

	if conv.UserID != userID {
		return nil, false, ErrConversationOwned
	}
	return conv, created, nil
}

// GetByID returns the conversation regardless of owner. Callers must check
// ownership before reading messages.
func (r *ConversationRepo) GetByID(ctx context.Context, id string) (*models.Conversation, error) {
	conv := &models.Conversation{}
	err := r.pool.QueryRow(ctx,
		"SELECT id, user_id, title, created_at FROM conversations WHERE id = $1",
		id,
	).Scan(&conv.ID, &conv.UserID, &conv.Title, &conv.CreatedAt)
	if err != nil {
		return nil, err
	}
	return conv, nil
}

func (r *ConversationRepo) ListByUser(ctx context.Context, userID uuid.UUID) ([]models.Conversation, error) {
	rows, err := r.pool.Query(ctx,
		"SELECT id, user_id, title, created_at FROM conversations WHERE user_id = $1 ORDER BY created_at DESC",
		userID,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	conversations := []models.Conversation{}
	for rows.Next() {
		var conv models.Conversation
		if err := rows.Scan(&conv.ID, &conv.UserID, &conv.Title, &conv.CreatedAt); err != nil {
			return nil, err
		}
		conversations = append(conversations, conv)
	}
	return conversations, rows.Err()
}

func (r *ConversationRepo) UpdateTitle(ctx context.Context, id string, title string) error {
	_, err := r.pool.Exec(ctx, "UPDATE conversations SET title = $1 WHERE id = $2", title, id)
	return err
}

package services

import (
	"context"
	"encoding/json"
	"fmt"
	"log"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"researchbot-backend/internal/models"
)

const TitleQueue = "queue:title-generation"

// EventService fans out per-user updates over Redis pub/sub (consumed by the
// websocket hub) and feeds the title generation queue.
type EventService struct {
	redis *redis.Client
}

func NewEventService(redisClient *redis.Client) *EventService {
	return &EventService{redis: redisClient}
}

// PublishUpdate sends a WebSocket update via Redis pub/sub
func (s *EventService) PublishUpdate(ctx context.Context, userID uuid.UUID, msg models.WSMessage) {
	data, err := json.Marshal(msg)
	if err != nil {
		log.Printf("Failed to marshal ws message: %v", err)
		return
	}
	s.redis.Publish(ctx, fmt.Sprintf("user_updates:%s", userID.String()), string(data))
}

// EnqueueTitleJob queues a conversation for async title generation.
func (s *EventService) EnqueueTitleJob(ctx context.Context, job models.TitleJob) error {
	data, err := json.Marshal(job)
	if err != nil {
		return fmt.Errorf("failed to marshal title job: %w", err)
	}
	return s.redis.LPush(ctx, TitleQueue, data).Err()
}

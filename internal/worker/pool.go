package worker

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"time"

	"github.com/redis/go-redis/v9"

	"researchbot-backend/internal/models"
	"researchbot-backend/internal/repository"
	"researchbot-backend/internal/services"
)

// Pool consumes title generation jobs queued when a conversation is created.
// Workers name the conversation from its opening prompt and notify the
// owner's open sessions.
type Pool struct {
	redis         *redis.Client
	provider      *services.OpenRouterService
	conversations *repository.ConversationRepo
	events        *services.EventService
	workerCount   int
	stopChan      chan struct{}
}

func NewPool(
	redisClient *redis.Client,
	provider *services.OpenRouterService,
	conversations *repository.ConversationRepo,
	events *services.EventService,
	workerCount int,
) *Pool {
	return &Pool{
		redis:         redisClient,
		provider:      provider,
		conversations: conversations,
		events:        events,
		workerCount:   workerCount,
		stopChan:      make(chan struct{}),
	}
}

func (p *Pool) Start() {
	for i := 0; i < p.workerCount; i++ {
		go p.worker(i)
	}

	log.Printf("Started %d title worker goroutines", p.workerCount)
}

func (p *Pool) Stop() {
	close(p.stopChan)
}

func (p *Pool) worker(id int) {
	for {
		select {
		case <-p.stopChan:
			log.Printf("Worker %d shutting down", id)
			return
		default:
		}

		ctx := context.Background()

		// BLPOP with 30s timeout
		result, err := p.redis.BLPop(ctx, 30*time.Second, services.TitleQueue).Result()
		if err != nil {
			continue // Timeout or error, retry
		}

		if len(result) < 2 {
			continue
		}

		var job models.TitleJob
		if err := json.Unmarshal([]byte(result[1]), &job); err != nil {
			log.Printf("Worker %d: failed to parse title job: %v", id, err)
			continue
		}

		// Lock so a re-queued job is only handled once
		lockKey := fmt.Sprintf("title_lock:%s", job.ConversationID)
		locked, err := p.redis.SetNX(ctx, lockKey, "1", 10*time.Minute).Result()
		if err != nil || !locked {
			continue
		}

		p.process(ctx, id, job)
	}
}

func (p *Pool) process(ctx context.Context, id int, job models.TitleJob) {
	log.Printf("Worker %d: generating title for conversation %s", id, job.ConversationID)

	genCtx, cancel := context.WithTimeout(ctx, time.Minute)
	defer cancel()

	title, err := p.provider.GenerateTitle(genCtx, job.Prompt)
	if err != nil {
		log.Printf("Worker %d: title generation failed for %s: %v", id, job.ConversationID, err)
		return
	}
	if title == "" {
		return
	}

	if err := p.conversations.UpdateTitle(ctx, job.ConversationID, title); err != nil {
		log.Printf("Worker %d: failed to store title for %s: %v", id, job.ConversationID, err)
		return
	}

	p.events.PublishUpdate(ctx, job.UserID, models.WSMessage{
		Type: "title_updated",
		Payload: models.ConversationUpdate{
			ConversationID: job.ConversationID,
			Title:          &title,
		},
	})
}

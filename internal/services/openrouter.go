package services

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	openai "github.com/sashabaranov/go-openai"

	"researchbot-backend/internal/models"
)

// UpstreamError carries the provider's HTTP status so the relay can mirror it
// to the caller.
type UpstreamError struct {
	StatusCode int
	Message    string
}

func (e *UpstreamError) Error() string {
	return fmt.Sprintf("upstream error (status %d): %s", e.StatusCode, e.Message)
}

// TokenStream yields generated text fragments until io.EOF. Fragment
// boundaries follow the provider's chunking; concatenating every fragment
// gives the complete answer.
type TokenStream interface {
	Recv() (string, error)
	Close() error
}

// OpenRouterService talks to OpenRouter, which speaks the OpenAI
// chat-completions API.
type OpenRouterService struct {
	client   *openai.Client
	model    string
	rateChan chan struct{} // Concurrency slots
}

func NewOpenRouterService(apiKey, baseURL, model string, concurrentReqs int) *OpenRouterService {
	clientConfig := openai.DefaultConfig(apiKey)
	clientConfig.BaseURL = baseURL

	rateChan := make(chan struct{}, concurrentReqs)
	for i := 0; i < concurrentReqs; i++ {
		rateChan <- struct{}{}
	}

	return &OpenRouterService{
		client:   openai.NewClientWithConfig(clientConfig),
		model:    model,
		rateChan: rateChan,
	}
}

// acquireRate blocks until a concurrency slot is available
func (s *OpenRouterService) acquireRate(ctx context.Context) error {
	select {
	case <-s.rateChan:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-time.After(5 * time.Minute):
		return fmt.Errorf("timeout waiting for OpenRouter slot")
	}
}

func (s *OpenRouterService) releaseRate() {
	s.rateChan <- struct{}{}
}

// buildMessages maps client history entries onto the provider's two-role
// scheme and appends the new prompt as the final user entry. Order is
// preserved; the provider owns context-window management.
func buildMessages(history []models.HistoryEntry, prompt string) []openai.ChatCompletionMessage {
	msgs := make([]openai.ChatCompletionMessage, 0, len(history)+1)
	for _, entry := range history {
		role := openai.ChatMessageRoleAssistant
		if entry.Sender == models.SenderUser {
			role = openai.ChatMessageRoleUser
		}
		msgs = append(msgs, openai.ChatCompletionMessage{
			Role:    role,
			Content: entry.Content,
		})
	}
	return append(msgs, openai.ChatCompletionMessage{
		Role:    openai.ChatMessageRoleUser,
		Content: prompt,
	})
}

// StreamChat submits the history plus prompt and returns a live token stream.
// The returned stream holds a concurrency slot until Close is called.
func (s *OpenRouterService) StreamChat(ctx context.Context, history []models.HistoryEntry, prompt string) (TokenStream, error) {
	if err := s.acquireRate(ctx); err != nil {
		return nil, err
	}

	req := openai.ChatCompletionRequest{
		Model:    s.model,
		Messages: buildMessages(history, prompt),
		Stream:   true,
	}

	stream, err := s.client.CreateChatCompletionStream(ctx, req)
	if err != nil {
		s.releaseRate()
		return nil, mapUpstreamError(err)
	}

	return &chatStream{stream: stream, release: s.releaseRate}, nil
}

// GenerateTitle asks the provider for a short conversation title based on the
// opening prompt.
func (s *OpenRouterService) GenerateTitle(ctx context.Context, prompt string) (string, error) {
	if err := s.acquireRate(ctx); err != nil {
		return "", err
	}
	defer s.releaseRate()

	resp, err := s.client.CreateChatCompletion(ctx, openai.ChatCompletionRequest{
		Model: s.model,
		Messages: []openai.ChatCompletionMessage{
			{
				Role:    openai.ChatMessageRoleSystem,
				Content: "Generate a title of at most six words for a conversation that starts with the user message below. Reply with the title only, no quotes.",
			},
			{
				Role:    openai.ChatMessageRoleUser,
				Content: prompt,
			},
		},
	})
	if err != nil {
		return "", mapUpstreamError(err)
	}
	if len(resp.Choices) == 0 {
		return "", fmt.Errorf("empty title response")
	}

	title := strings.TrimSpace(strings.Trim(strings.TrimSpace(resp.Choices[0].Message.Content), `"`))
	if len(title) > 80 {
		title = title[:80]
	}
	return title, nil
}

// mapUpstreamError translates go-openai error types into UpstreamError so
// callers can mirror the provider's status code.
func mapUpstreamError(err error) error {
	var apiErr *openai.APIError
	if errors.As(err, &apiErr) {
		msg := apiErr.Message
		if msg == "" {
			msg = "Failed to get AI response"
		}
		return &UpstreamError{StatusCode: apiErr.HTTPStatusCode, Message: msg}
	}

	var reqErr *openai.RequestError
	if errors.As(err, &reqErr) {
		return &UpstreamError{StatusCode: reqErr.HTTPStatusCode, Message: "Failed to get AI response"}
	}

	return err
}

type chatStream struct {
	stream    *openai.ChatCompletionStream
	release   func()
	closeOnce sync.Once
}

func (s *chatStream) Recv() (string, error) {
	resp, err := s.stream.Recv()
	if err != nil {
		return "", err
	}
	if len(resp.Choices) == 0 {
		return "", nil
	}
	return resp.Choices[0].Delta.Content, nil
}

func (s *chatStream) Close() error {
	err := s.stream.Close()
	s.closeOnce.Do(s.release)
	return err
}

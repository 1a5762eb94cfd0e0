package handlers

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"researchbot-backend/internal/middleware"
	"researchbot-backend/internal/models"
	"researchbot-backend/internal/repository"
	"researchbot-backend/internal/services"
)

// ─── Fakes ───

type fakeConversationStore struct {
	conversations map[string]*models.Conversation
	findErr       error
}

func newFakeConversationStore() *fakeConversationStore {
	return &fakeConversationStore{conversations: make(map[string]*models.Conversation)}
}

func (f *fakeConversationStore) FindOrCreate(ctx context.Context, id string, userID uuid.UUID) (*models.Conversation, bool, error) {
	if f.findErr != nil {
		return nil, false, f.findErr
	}
	if conv, ok := f.conversations[id]; ok {
		if conv.UserID != userID {
			return nil, false, repository.ErrConversationOwned
		}
		return conv, false, nil
	}
	conv := &models.Conversation{ID: id, UserID: userID, CreatedAt: time.Now()}
	f.conversations[id] = conv
	return conv, true, nil
}

func (f *fakeConversationStore) GetByID(ctx context.Context, id string) (*models.Conversation, error) {
	if conv, ok := f.conversations[id]; ok {
		return conv, nil
	}
	return nil, pgx.ErrNoRows
}

func (f *fakeConversationStore) ListByUser(ctx context.Context, userID uuid.UUID) ([]models.Conversation, error) {
	result := []models.Conversation{}
	for _, conv := range f.conversations {
		if conv.UserID == userID {
			result = append(result, *conv)
		}
	}
	return result, nil
}

type fakeMessageStore struct {
	messages     []models.ChatMessage
	failOnSender string
	clock        time.Time
}

func (f *fakeMessageStore) Create(ctx context.Context, m *models.ChatMessage) error {
	if f.failOnSender != "" && m.Sender == f.failOnSender {
		return errors.New("store unavailable")
	}
	m.ID = uuid.New()
	f.clock = f.clock.Add(time.Second)
	m.CreatedAt = f.clock
	f.messages = append(f.messages, *m)
	return nil
}

func (f *fakeMessageStore) ListByConversation(ctx context.Context, conversationID string) ([]models.ChatMessage, error) {
	result := []models.ChatMessage{}
	for _, m := range f.messages {
		if m.ConversationID == conversationID {
			result = append(result, m)
		}
	}
	return result, nil
}

type fakeStream struct {
	chunks  []string
	err     error // returned after chunks are drained; nil means io.EOF
	pos     int
	closed  bool
}

func (f *fakeStream) Recv() (string, error) {
	if f.pos < len(f.chunks) {
		chunk := f.chunks[f.pos]
		f.pos++
		return chunk, nil
	}
	if f.err != nil {
		return "", f.err
	}
	return "", io.EOF
}

func (f *fakeStream) Close() error {
	f.closed = true
	return nil
}

type fakeProvider struct {
	stream     *fakeStream
	err        error
	gotHistory []models.HistoryEntry
	gotPrompt  string
	calls      int
}

func (f *fakeProvider) StreamChat(ctx context.Context, history []models.HistoryEntry, prompt string) (services.TokenStream, error) {
	f.calls++
	f.gotHistory = history
	f.gotPrompt = prompt
	if f.err != nil {
		return nil, f.err
	}
	return f.stream, nil
}

type fakeEvents struct {
	published []models.WSMessage
	titleJobs []models.TitleJob
}

func (f *fakeEvents) PublishUpdate(ctx context.Context, userID uuid.UUID, msg models.WSMessage) {
	f.published = append(f.published, msg)
}

func (f *fakeEvents) EnqueueTitleJob(ctx context.Context, job models.TitleJob) error {
	f.titleJobs = append(f.titleJobs, job)
	return nil
}

// ─── Helpers ───

func submitRequest(t *testing.T, body interface{}, userID uuid.UUID) *http.Request {
	t.Helper()

	jsonBody, err := json.Marshal(body)
	if err != nil {
		t.Fatalf("Failed to marshal request body: %v", err)
	}

	req := httptest.NewRequest(http.MethodPost, "/api/v1/chat", bytes.NewReader(jsonBody))
	req.Header.Set("Content-Type", "application/json")
	if userID != uuid.Nil {
		req = req.WithContext(context.WithValue(req.Context(), middleware.UserIDKey, userID))
	}
	return req
}

func decodeError(t *testing.T, body *bytes.Buffer) string {
	t.Helper()

	var resp models.ErrorResponse
	if err := json.NewDecoder(body).Decode(&resp); err != nil {
		t.Fatalf("Failed to decode error body: %v", err)
	}
	return resp.Error
}

// ─── Tests ───

func TestSubmitPrompt_StreamsAndPersists(t *testing.T) {
	userID := uuid.New()
	conversations := newFakeConversationStore()
	messages := &fakeMessageStore{}
	stream := &fakeStream{chunks: []string{"Hel", "lo ", "world"}}
	provider := &fakeProvider{stream: stream}
	events := &fakeEvents{}
	h := NewChatHandler(conversations, messages, provider, events)

	req := submitRequest(t, models.PromptRequest{
		Prompt:         "Hello",
		ConversationID: "c1",
		History:        []models.HistoryEntry{},
	}, userID)
	rr := httptest.NewRecorder()

	h.SubmitPrompt(rr, req)

	if rr.Code != http.StatusOK {
		t.Fatalf("Expected status 200, got %d", rr.Code)
	}
	if got := rr.Header().Get("X-Conversation-Id"); got != "c1" {
		t.Errorf("Expected X-Conversation-Id 'c1', got %q", got)
	}
	if got := rr.Body.String(); got != "Hello world" {
		t.Errorf("Expected streamed body 'Hello world', got %q", got)
	}

	if len(messages.messages) != 2 {
		t.Fatalf("Expected 2 persisted messages, got %d", len(messages.messages))
	}
	userMsg, aiMsg := messages.messages[0], messages.messages[1]
	if userMsg.Sender != models.SenderUser || userMsg.Content != "Hello" {
		t.Errorf("Expected first message user/'Hello', got %s/%q", userMsg.Sender, userMsg.Content)
	}
	if aiMsg.Sender != models.SenderAI {
		t.Errorf("Expected second message sender 'ai', got %q", aiMsg.Sender)
	}
	if aiMsg.Content != rr.Body.String() {
		t.Errorf("Persisted assistant content %q differs from relayed body %q", aiMsg.Content, rr.Body.String())
	}
	if userMsg.ConversationID != "c1" || aiMsg.ConversationID != "c1" {
		t.Errorf("Expected both messages attached to c1")
	}

	if !stream.closed {
		t.Error("Expected upstream stream to be closed")
	}
	if len(events.titleJobs) != 1 || events.titleJobs[0].ConversationID != "c1" {
		t.Errorf("Expected one title job for c1, got %+v", events.titleJobs)
	}
	if len(events.published) != 1 || events.published[0].Type != "conversation_updated" {
		t.Errorf("Expected one conversation_updated event, got %+v", events.published)
	}
}

func TestSubmitPrompt_Unauthenticated(t *testing.T) {
	messages := &fakeMessageStore{}
	provider := &fakeProvider{stream: &fakeStream{chunks: []string{"hi"}}}
	h := NewChatHandler(newFakeConversationStore(), messages, provider, nil)

	req := submitRequest(t, models.PromptRequest{Prompt: "Hello", ConversationID: "c1"}, uuid.Nil)
	rr := httptest.NewRecorder()

	h.SubmitPrompt(rr, req)

	if rr.Code != http.StatusUnauthorized {
		t.Fatalf("Expected status 401, got %d", rr.Code)
	}
	if got := decodeError(t, rr.Body); got != "Authentication required" {
		t.Errorf("Expected 'Authentication required', got %q", got)
	}
	if len(messages.messages) != 0 {
		t.Errorf("Expected no persisted messages, got %d", len(messages.messages))
	}
	if provider.calls != 0 {
		t.Errorf("Expected no upstream call, got %d", provider.calls)
	}
}

func TestSubmitPrompt_InvalidInput(t *testing.T) {
	tests := []struct {
		name     string
		body     models.PromptRequest
		expected string
	}{
		{"empty prompt", models.PromptRequest{Prompt: "", ConversationID: "c1"}, "Prompt is required and must be a non-empty string"},
		{"whitespace prompt", models.PromptRequest{Prompt: "   \n\t ", ConversationID: "c1"}, "Prompt is required and must be a non-empty string"},
		{"missing conversation id", models.PromptRequest{Prompt: "Hello"}, "Conversation ID is required"},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			messages := &fakeMessageStore{}
			h := NewChatHandler(newFakeConversationStore(), messages, &fakeProvider{}, nil)

			req := submitRequest(t, tc.body, uuid.New())
			rr := httptest.NewRecorder()

			h.SubmitPrompt(rr, req)

			if rr.Code != http.StatusBadRequest {
				t.Fatalf("Expected status 400, got %d", rr.Code)
			}
			if got := decodeError(t, rr.Body); got != tc.expected {
				t.Errorf("Expected error %q, got %q", tc.expected, got)
			}
			if len(messages.messages) != 0 {
				t.Errorf("Expected no persisted messages, got %d", len(messages.messages))
			}
		})
	}
}

func TestSubmitPrompt_UpstreamFailureMirrorsStatus(t *testing.T) {
	userID := uuid.New()
	messages := &fakeMessageStore{}
	provider := &fakeProvider{err: &services.UpstreamError{StatusCode: http.StatusTooManyRequests, Message: "Rate limit exceeded"}}
	h := NewChatHandler(newFakeConversationStore(), messages, provider, nil)

	req := submitRequest(t, models.PromptRequest{Prompt: "Hello", ConversationID: "c1"}, userID)
	rr := httptest.NewRecorder()

	h.SubmitPrompt(rr, req)

	if rr.Code != http.StatusTooManyRequests {
		t.Fatalf("Expected mirrored status 429, got %d", rr.Code)
	}
	if got := decodeError(t, rr.Body); got != "Rate limit exceeded" {
		t.Errorf("Expected provider message, got %q", got)
	}

	// The user turn is durable even though the upstream call failed.
	if len(messages.messages) != 1 {
		t.Fatalf("Expected exactly 1 persisted message, got %d", len(messages.messages))
	}
	if messages.messages[0].Sender != models.SenderUser {
		t.Errorf("Expected the surviving message to be the user's, got %q", messages.messages[0].Sender)
	}
}

func TestSubmitPrompt_ConversationOwnedByOtherUser(t *testing.T) {
	owner := uuid.New()
	intruder := uuid.New()
	conversations := newFakeConversationStore()
	conversations.conversations["c1"] = &models.Conversation{ID: "c1", UserID: owner}
	messages := &fakeMessageStore{}
	h := NewChatHandler(conversations, messages, &fakeProvider{}, nil)

	req := submitRequest(t, models.PromptRequest{Prompt: "Hello", ConversationID: "c1"}, intruder)
	rr := httptest.NewRecorder()

	h.SubmitPrompt(rr, req)

	if rr.Code != http.StatusForbidden {
		t.Fatalf("Expected status 403, got %d", rr.Code)
	}
	if len(messages.messages) != 0 {
		t.Errorf("Expected no cross-owner message, got %d", len(messages.messages))
	}
}

func TestSubmitPrompt_ReusesExistingConversation(t *testing.T) {
	userID := uuid.New()
	conversations := newFakeConversationStore()
	messages := &fakeMessageStore{}
	events := &fakeEvents{}
	h := NewChatHandler(conversations, messages, &fakeProvider{stream: &fakeStream{chunks: []string{"first"}}}, events)

	first := submitRequest(t, models.PromptRequest{Prompt: "One", ConversationID: "c1"}, userID)
	h.SubmitPrompt(httptest.NewRecorder(), first)

	h2 := NewChatHandler(conversations, messages, &fakeProvider{stream: &fakeStream{chunks: []string{"second"}}}, events)
	second := submitRequest(t, models.PromptRequest{Prompt: "Two", ConversationID: "c1"}, userID)
	h2.SubmitPrompt(httptest.NewRecorder(), second)

	if len(conversations.conversations) != 1 {
		t.Fatalf("Expected a single conversation, got %d", len(conversations.conversations))
	}
	if len(messages.messages) != 4 {
		t.Errorf("Expected 4 messages after two turns, got %d", len(messages.messages))
	}
	// Only the creating submission queues a title job.
	if len(events.titleJobs) != 1 {
		t.Errorf("Expected exactly one title job, got %d", len(events.titleJobs))
	}
}

func TestSubmitPrompt_HistoryForwardedInOrder(t *testing.T) {
	userID := uuid.New()
	provider := &fakeProvider{stream: &fakeStream{chunks: []string{"ok"}}}
	h := NewChatHandler(newFakeConversationStore(), &fakeMessageStore{}, provider, nil)

	history := []models.HistoryEntry{
		{Sender: "user", Content: "What is Go?"},
		{Sender: "ai", Content: "A programming language."},
	}
	req := submitRequest(t, models.PromptRequest{Prompt: "Tell me more", ConversationID: "c1", History: history}, userID)

	h.SubmitPrompt(httptest.NewRecorder(), req)

	if provider.gotPrompt != "Tell me more" {
		t.Errorf("Expected prompt forwarded verbatim, got %q", provider.gotPrompt)
	}
	if len(provider.gotHistory) != 2 {
		t.Fatalf("Expected 2 history entries forwarded, got %d", len(provider.gotHistory))
	}
	if provider.gotHistory[0].Content != "What is Go?" || provider.gotHistory[1].Content != "A programming language." {
		t.Errorf("History order not preserved: %+v", provider.gotHistory)
	}
}

func TestSubmitPrompt_StreamInterruptedKeepsPartialContent(t *testing.T) {
	userID := uuid.New()
	messages := &fakeMessageStore{}
	stream := &fakeStream{chunks: []string{"par", "tial"}, err: errors.New("connection reset")}
	h := NewChatHandler(newFakeConversationStore(), messages, &fakeProvider{stream: stream}, nil)

	req := submitRequest(t, models.PromptRequest{Prompt: "Hello", ConversationID: "c1"}, userID)
	rr := httptest.NewRecorder()

	h.SubmitPrompt(rr, req)

	// The transport already committed to 200; interruption surfaces as a
	// short body.
	if rr.Code != http.StatusOK {
		t.Fatalf("Expected status 200, got %d", rr.Code)
	}
	if rr.Body.String() != "partial" {
		t.Errorf("Expected body 'partial', got %q", rr.Body.String())
	}

	if len(messages.messages) != 2 {
		t.Fatalf("Expected 2 persisted messages, got %d", len(messages.messages))
	}
	if messages.messages[1].Content != "partial" {
		t.Errorf("Expected partial content persisted, got %q", messages.messages[1].Content)
	}
}

func TestSubmitPrompt_AssistantPersistFailureIsSwallowed(t *testing.T) {
	userID := uuid.New()
	messages := &fakeMessageStore{failOnSender: models.SenderAI}
	events := &fakeEvents{}
	h := NewChatHandler(newFakeConversationStore(), messages, &fakeProvider{stream: &fakeStream{chunks: []string{"answer"}}}, events)

	req := submitRequest(t, models.PromptRequest{Prompt: "Hello", ConversationID: "c1"}, userID)
	rr := httptest.NewRecorder()

	h.SubmitPrompt(rr, req)

	// The client already has the content; only durability is at risk.
	if rr.Code != http.StatusOK {
		t.Fatalf("Expected status 200, got %d", rr.Code)
	}
	if rr.Body.String() != "answer" {
		t.Errorf("Expected full body despite persistence failure, got %q", rr.Body.String())
	}
	if len(messages.messages) != 1 {
		t.Errorf("Expected only the user message persisted, got %d", len(messages.messages))
	}
	if len(events.published) != 0 {
		t.Errorf("Expected no update event after failed persistence, got %d", len(events.published))
	}
}

func TestSubmitPrompt_UserPersistFailureAborts(t *testing.T) {
	userID := uuid.New()
	messages := &fakeMessageStore{failOnSender: models.SenderUser}
	provider := &fakeProvider{stream: &fakeStream{chunks: []string{"hi"}}}
	h := NewChatHandler(newFakeConversationStore(), messages, provider, nil)

	req := submitRequest(t, models.PromptRequest{Prompt: "Hello", ConversationID: "c1"}, userID)
	rr := httptest.NewRecorder()

	h.SubmitPrompt(rr, req)

	if rr.Code != http.StatusInternalServerError {
		t.Fatalf("Expected status 500, got %d", rr.Code)
	}
	if provider.calls != 0 {
		t.Errorf("Expected no upstream call after failed user persistence, got %d", provider.calls)
	}
}

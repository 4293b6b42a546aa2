package app

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"agentbridge/internal/agent"
	"agentbridge/internal/attachment"
	"agentbridge/internal/model"
)

type fakeConversationStore struct {
	mu     sync.Mutex
	nextID uint
	convs  map[uint]*model.Conversation
}

func newFakeConversationStore() *fakeConversationStore {
	return &fakeConversationStore{convs: make(map[uint]*model.Conversation)}
}

func (s *fakeConversationStore) Create(conversation *model.Conversation) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.nextID++
	conversation.ID = s.nextID
	conversation.CreatedAt = time.Now()
	conversation.UpdatedAt = conversation.CreatedAt
	copied := *conversation
	s.convs[conversation.ID] = &copied
	return nil
}

func (s *fakeConversationStore) ListByUserID(userID uint) ([]model.Conversation, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []model.Conversation
	for _, conv := range s.convs {
		if conv.UserID == userID {
			out = append(out, *conv)
		}
	}
	return out, nil
}

func (s *fakeConversationStore) GetByIDAndUserID(conversationID, userID uint) (*model.Conversation, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	conv, ok := s.convs[conversationID]
	if !ok || conv.UserID != userID {
		return nil, nil
	}
	copied := *conv
	return &copied, nil
}

func (s *fakeConversationStore) UpdateTitle(conversationID, userID uint, title string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if conv, ok := s.convs[conversationID]; ok && conv.UserID == userID {
		conv.Title = title
	}
	return nil
}

func (s *fakeConversationStore) DeleteByIDAndUserID(conversationID, userID uint) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if conv, ok := s.convs[conversationID]; ok && conv.UserID == userID {
		delete(s.convs, conversationID)
	}
	return nil
}

type fakeMessageStore struct {
	mu       sync.Mutex
	messages []model.Message
}

func (s *fakeMessageStore) ListByConversationID(conversationID uint, limit int) ([]model.Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []model.Message
	for _, msg := range s.messages {
		if msg.ConversationID == conversationID {
			out = append(out, msg)
		}
	}
	return out, nil
}

func (s *fakeMessageStore) DeleteByConversationID(conversationID uint) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	kept := s.messages[:0]
	for _, msg := range s.messages {
		if msg.ConversationID != conversationID {
			kept = append(kept, msg)
		}
	}
	s.messages = kept
	return nil
}

// capturePublisher records every message the controller considers durable.
type capturePublisher struct {
	mu        sync.Mutex
	published []model.Message
	failNext  bool
}

func (p *capturePublisher) Publish(_ context.Context, msg model.Message) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.failNext {
		p.failNext = false
		return errors.New("broker unavailable")
	}
	p.published = append(p.published, msg)
	return nil
}

func (p *capturePublisher) byRole(role string) []model.Message {
	p.mu.Lock()
	defer p.mu.Unlock()
	var out []model.Message
	for _, msg := range p.published {
		if msg.Role == role {
			out = append(out, msg)
		}
	}
	return out
}

// fakeAgent lets each test script the endpoint's behavior.
type fakeAgent struct {
	streamFn   func(ctx context.Context, req agent.Request, onText func(string) error) (agent.Result, error)
	completeFn func(ctx context.Context, req agent.Request) (agent.Result, error)
}

func (f *fakeAgent) Complete(ctx context.Context, req agent.Request) (agent.Result, error) {
	return f.completeFn(ctx, req)
}

func (f *fakeAgent) StreamComplete(ctx context.Context, req agent.Request, onText func(string) error) (agent.Result, error) {
	return f.streamFn(ctx, req, onText)
}

func streamOf(chunks ...string) func(context.Context, agent.Request, func(string) error) (agent.Result, error) {
	return func(_ context.Context, _ agent.Request, onText func(string) error) (agent.Result, error) {
		var content string
		for _, chunk := range chunks {
			content += chunk
			if err := onText(chunk); err != nil {
				return agent.Result{}, err
			}
		}
		return agent.Result{Content: content}, nil
	}
}

type testEnv struct {
	controller *ChatController
	convs      *fakeConversationStore
	msgs       *fakeMessageStore
	publisher  *capturePublisher
}

func newTestEnv(t *testing.T, ag AgentCaller, streaming bool) *testEnv {
	t.Helper()
	convs := newFakeConversationStore()
	msgs := &fakeMessageStore{}
	publisher := &capturePublisher{}
	controller := NewChatController(convs, msgs, publisher, nil, ag, nil, ControllerOptions{
		Streaming: streaming,
		Timeout:   5 * time.Second,
	})
	return &testEnv{controller: controller, convs: convs, msgs: msgs, publisher: publisher}
}

func (e *testEnv) newConversation(t *testing.T, id Identity) uint {
	t.Helper()
	conv, err := e.controller.CreateConversation(id, "test")
	require.NoError(t, err)
	return conv.ID
}

var alice = Identity{UserID: 1, Username: "alice"}

// Streaming the chunks "Hi", " there", "!" commits exactly one human and one
// assistant message, with the assistant content equal to the concatenation.
func TestSendMessageStreamsAndCommits(t *testing.T) {
	env := newTestEnv(t, &fakeAgent{streamFn: streamOf("Hi", " there", "!")}, true)
	convID := env.newConversation(t, alice)

	var seen []string
	result, err := env.controller.SendMessage(context.Background(), alice, SendMessageInput{
		ConversationID: convID,
		Text:           "Hello",
	}, func(delta string) error {
		seen = append(seen, delta)
		return nil
	})
	require.NoError(t, err)

	assert.Equal(t, []string{"Hi", " there", "!"}, seen)
	assert.Equal(t, "Hi there!", result.AIMessage.Content)
	assert.Equal(t, model.RoleAI, result.AIMessage.Role)
	assert.Equal(t, "Hello", result.HumanMessage.Content)
	assert.Equal(t, model.RoleHuman, result.HumanMessage.Role)
	assert.NotEmpty(t, result.RequestID)

	require.Len(t, env.publisher.byRole(model.RoleHuman), 1)
	require.Len(t, env.publisher.byRole(model.RoleAI), 1)
	assert.Equal(t, StateIdle, env.controller.State(convID))
}

func TestSendMessageRejectsEmptySubmission(t *testing.T) {
	env := newTestEnv(t, &fakeAgent{}, true)
	convID := env.newConversation(t, alice)

	_, err := env.controller.SendMessage(context.Background(), alice, SendMessageInput{
		ConversationID: convID,
		Text:           "   ",
	}, nil)
	require.ErrorIs(t, err, ErrEmptyMessage)
	assert.Empty(t, env.publisher.published)
	assert.Equal(t, StateIdle, env.controller.State(convID))
}

func TestSendMessageRefusesWithoutIdentity(t *testing.T) {
	env := newTestEnv(t, &fakeAgent{}, true)

	_, err := env.controller.SendMessage(context.Background(), Identity{}, SendMessageInput{
		ConversationID: 1,
		Text:           "hello",
	}, nil)
	require.ErrorIs(t, err, ErrNoIdentity)
}

func TestSendMessageCreatesConversationOnFirstSend(t *testing.T) {
	env := newTestEnv(t, &fakeAgent{streamFn: streamOf("ok")}, true)

	result, err := env.controller.SendMessage(context.Background(), alice, SendMessageInput{
		Text: "first message of a brand new thread",
	}, nil)
	require.NoError(t, err)
	require.NotZero(t, result.ConversationID)

	conv, err := env.convs.GetByIDAndUserID(result.ConversationID, alice.UserID)
	require.NoError(t, err)
	require.NotNil(t, conv)
	assert.Equal(t, "first message of a brand new thread", conv.Title)
}

// Transport failure: the human message survives, no assistant message is
// committed, and the conversation is Idle again so the user can retry.
func TestSendMessageTransportFailure(t *testing.T) {
	env := newTestEnv(t, &fakeAgent{
		streamFn: func(context.Context, agent.Request, func(string) error) (agent.Result, error) {
			return agent.Result{}, fmt.Errorf("agent stream status 500: boom")
		},
	}, true)
	convID := env.newConversation(t, alice)

	_, err := env.controller.SendMessage(context.Background(), alice, SendMessageInput{
		ConversationID: convID,
		Text:           "status?",
	}, nil)
	require.ErrorIs(t, err, ErrAgentUnreachable)

	humans := env.publisher.byRole(model.RoleHuman)
	require.Len(t, humans, 1)
	assert.Equal(t, "status?", humans[0].Content)
	assert.Empty(t, env.publisher.byRole(model.RoleAI))
	assert.Equal(t, StateIdle, env.controller.State(convID))
}

// A malformed stream discards whatever partial draft was rendered; nothing is
// committed.
func TestSendMessageProtocolFailureDiscardsPartialDraft(t *testing.T) {
	env := newTestEnv(t, &fakeAgent{
		streamFn: func(_ context.Context, _ agent.Request, onText func(string) error) (agent.Result, error) {
			_ = onText("partial ")
			return agent.Result{}, fmt.Errorf("%w: undecodable event payload", agent.ErrProtocol)
		},
	}, true)
	convID := env.newConversation(t, alice)

	_, err := env.controller.SendMessage(context.Background(), alice, SendMessageInput{
		ConversationID: convID,
		Text:           "go on",
	}, nil)
	require.ErrorIs(t, err, ErrStreamProtocol)
	assert.Empty(t, env.publisher.byRole(model.RoleAI))
	assert.Equal(t, StateIdle, env.controller.State(convID))
}

// An empty stream is a degenerate valid reply: an empty assistant message is
// committed rather than an error raised.
func TestSendMessageEmptyStreamCommitsEmptyReply(t *testing.T) {
	env := newTestEnv(t, &fakeAgent{streamFn: streamOf()}, true)
	convID := env.newConversation(t, alice)

	result, err := env.controller.SendMessage(context.Background(), alice, SendMessageInput{
		ConversationID: convID,
		Text:           "anyone there?",
	}, nil)
	require.NoError(t, err)
	assert.Equal(t, "", result.AIMessage.Content)
	require.Len(t, env.publisher.byRole(model.RoleAI), 1)
}

// Cancelling after the first chunk commits nothing and surfaces no failure
// beyond the cancellation sentinel.
func TestCancelActiveStreamMidStream(t *testing.T) {
	firstChunk := make(chan struct{})
	env := newTestEnv(t, &fakeAgent{
		streamFn: func(ctx context.Context, _ agent.Request, onText func(string) error) (agent.Result, error) {
			_ = onText("Hi")
			close(firstChunk)
			<-ctx.Done()
			return agent.Result{}, ctx.Err()
		},
	}, true)
	convID := env.newConversation(t, alice)

	done := make(chan error, 1)
	go func() {
		_, err := env.controller.SendMessage(context.Background(), alice, SendMessageInput{
			ConversationID: convID,
			Text:           "tell me a story",
		}, nil)
		done <- err
	}()

	<-firstChunk
	env.controller.CancelActiveStream(alice, convID)

	err := <-done
	require.ErrorIs(t, err, ErrStreamCancelled)
	assert.Empty(t, env.publisher.byRole(model.RoleAI))
	assert.Equal(t, StateIdle, env.controller.State(convID))
}

func TestCancelActiveStreamIdleIsNoOp(t *testing.T) {
	env := newTestEnv(t, &fakeAgent{}, true)
	convID := env.newConversation(t, alice)

	env.controller.CancelActiveStream(alice, convID)
	env.controller.CancelActiveStream(alice, convID)
	assert.Equal(t, StateIdle, env.controller.State(convID))
	assert.Empty(t, env.publisher.published)
}

// Two back-to-back sends on one conversation: the second is rejected as busy
// and exactly one assistant message results.
func TestSendMessageBusyConflict(t *testing.T) {
	release := make(chan struct{})
	started := make(chan struct{})
	env := newTestEnv(t, &fakeAgent{
		streamFn: func(ctx context.Context, _ agent.Request, onText func(string) error) (agent.Result, error) {
			close(started)
			select {
			case <-release:
			case <-ctx.Done():
				return agent.Result{}, ctx.Err()
			}
			_ = onText("done")
			return agent.Result{Content: "done"}, nil
		},
	}, true)
	convID := env.newConversation(t, alice)

	firstDone := make(chan error, 1)
	go func() {
		_, err := env.controller.SendMessage(context.Background(), alice, SendMessageInput{
			ConversationID: convID,
			Text:           "first",
		}, nil)
		firstDone <- err
	}()

	<-started
	assert.Equal(t, StateStreaming, env.controller.State(convID))

	_, err := env.controller.SendMessage(context.Background(), alice, SendMessageInput{
		ConversationID: convID,
		Text:           "second",
	}, nil)
	require.ErrorIs(t, err, ErrConversationBusy)

	close(release)
	require.NoError(t, <-firstDone)

	assert.Len(t, env.publisher.byRole(model.RoleAI), 1)
	assert.Equal(t, StateIdle, env.controller.State(convID))
}

// Switching to another conversation cancels the stream running on the first.
func TestSwitchConversationCancelsInFlightStream(t *testing.T) {
	started := make(chan struct{})
	env := newTestEnv(t, &fakeAgent{
		streamFn: func(ctx context.Context, _ agent.Request, _ func(string) error) (agent.Result, error) {
			close(started)
			<-ctx.Done()
			return agent.Result{}, ctx.Err()
		},
	}, true)
	firstID := env.newConversation(t, alice)
	secondID := env.newConversation(t, alice)

	done := make(chan error, 1)
	go func() {
		_, err := env.controller.SendMessage(context.Background(), alice, SendMessageInput{
			ConversationID: firstID,
			Text:           "long running",
		}, nil)
		done <- err
	}()

	<-started
	_, err := env.controller.SwitchConversation(context.Background(), alice, secondID, 0)
	require.NoError(t, err)

	require.ErrorIs(t, <-done, ErrStreamCancelled)
	assert.Equal(t, StateIdle, env.controller.State(firstID))
}

func TestDeleteConversationForbiddenWhileStreaming(t *testing.T) {
	started := make(chan struct{})
	release := make(chan struct{})
	env := newTestEnv(t, &fakeAgent{
		streamFn: func(ctx context.Context, _ agent.Request, _ func(string) error) (agent.Result, error) {
			close(started)
			select {
			case <-release:
				return agent.Result{}, nil
			case <-ctx.Done():
				return agent.Result{}, ctx.Err()
			}
		},
	}, true)
	convID := env.newConversation(t, alice)

	done := make(chan error, 1)
	go func() {
		_, err := env.controller.SendMessage(context.Background(), alice, SendMessageInput{
			ConversationID: convID,
			Text:           "hold the line",
		}, nil)
		done <- err
	}()

	<-started
	require.ErrorIs(t, env.controller.DeleteConversation(alice, convID), ErrConversationBusy)

	close(release)
	require.NoError(t, <-done)

	// Idle again: deletion goes through.
	require.NoError(t, env.controller.DeleteConversation(alice, convID))
	conv, err := env.convs.GetByIDAndUserID(convID, alice.UserID)
	require.NoError(t, err)
	assert.Nil(t, conv)
}

// Non-streaming mode: the single JSON payload is treated as a one-chunk
// sequence and committed through the same path.
func TestSendMessageNonStreamingMode(t *testing.T) {
	env := newTestEnv(t, &fakeAgent{
		completeFn: func(context.Context, agent.Request) (agent.Result, error) {
			return agent.Result{Content: "42"}, nil
		},
	}, false)
	convID := env.newConversation(t, alice)

	result, err := env.controller.SendMessage(context.Background(), alice, SendMessageInput{
		ConversationID: convID,
		Text:           "meaning of life?",
	}, nil)
	require.NoError(t, err)
	assert.Equal(t, "42", result.AIMessage.Content)
	require.Len(t, env.publisher.byRole(model.RoleAI), 1)
}

func TestSendMessageEnqueueFailureBeforeAgentCall(t *testing.T) {
	agentCalled := false
	env := newTestEnv(t, &fakeAgent{
		streamFn: func(context.Context, agent.Request, func(string) error) (agent.Result, error) {
			agentCalled = true
			return agent.Result{}, nil
		},
	}, true)
	convID := env.newConversation(t, alice)
	env.publisher.failNext = true

	_, err := env.controller.SendMessage(context.Background(), alice, SendMessageInput{
		ConversationID: convID,
		Text:           "hello",
	}, nil)
	require.ErrorIs(t, err, ErrMessageEnqueue)
	assert.False(t, agentCalled)
	assert.Equal(t, StateIdle, env.controller.State(convID))
}

func TestSendMessageRejectsUnknownConversation(t *testing.T) {
	env := newTestEnv(t, &fakeAgent{}, true)

	_, err := env.controller.SendMessage(context.Background(), alice, SendMessageInput{
		ConversationID: 999,
		Text:           "hello",
	}, nil)
	require.ErrorIs(t, err, ErrConversationNotFound)
}

// The real inspector sits in front of the agent call: undecodable payloads
// are a validation failure, before any network activity.
func TestSendMessageRejectsBadAttachment(t *testing.T) {
	convs := newFakeConversationStore()
	msgs := &fakeMessageStore{}
	publisher := &capturePublisher{}
	inspector := attachment.NewInspector(1024, 0, nil, nil)
	controller := NewChatController(convs, msgs, publisher, nil, &fakeAgent{}, inspector, ControllerOptions{
		Streaming: true,
		Timeout:   time.Second,
	})

	conv, err := controller.CreateConversation(alice, "files")
	require.NoError(t, err)

	_, err = controller.SendMessage(context.Background(), alice, SendMessageInput{
		ConversationID: conv.ID,
		Text:           "see attached",
		Attachments: []model.FileAttachment{
			{Name: "notes.txt", MimeType: "text/plain", Data: "not-base64!!"},
		},
	}, nil)
	require.ErrorIs(t, err, ErrInvalidAttachment)
	assert.Empty(t, publisher.published)
}

// An attachment alone, with no text, is a valid submission.
func TestSendMessageAttachmentOnly(t *testing.T) {
	env := newTestEnv(t, &fakeAgent{
		streamFn: func(_ context.Context, req agent.Request, onText func(string) error) (agent.Result, error) {
			if len(req.Files) != 1 {
				return agent.Result{}, fmt.Errorf("expected one file, got %d", len(req.Files))
			}
			_ = onText("received " + req.Files[0].Name)
			return agent.Result{Content: "received " + req.Files[0].Name}, nil
		},
	}, true)
	convID := env.newConversation(t, alice)

	payload := base64.StdEncoding.EncodeToString([]byte("hello world"))
	result, err := env.controller.SendMessage(context.Background(), alice, SendMessageInput{
		ConversationID: convID,
		Attachments: []model.FileAttachment{
			{Name: "notes.txt", MimeType: "text/plain", Data: payload},
		},
	}, nil)
	require.NoError(t, err)
	assert.Equal(t, "received notes.txt", result.AIMessage.Content)

	humans := env.publisher.byRole(model.RoleHuman)
	require.Len(t, humans, 1)
	assert.Len(t, humans[0].AttachmentList(), 1)
}

func TestRenameConversation(t *testing.T) {
	env := newTestEnv(t, &fakeAgent{}, true)
	convID := env.newConversation(t, alice)

	require.NoError(t, env.controller.RenameConversation(alice, convID, "renamed"))
	conv, err := env.convs.GetByIDAndUserID(convID, alice.UserID)
	require.NoError(t, err)
	assert.Equal(t, "renamed", conv.Title)

	require.ErrorIs(t, env.controller.RenameConversation(alice, convID, "  "), ErrInvalidInput)
	require.ErrorIs(t, env.controller.RenameConversation(alice, 999, "x"), ErrConversationNotFound)
}

package app

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"agentbridge/internal/agent"
	"agentbridge/internal/model"
)

// ConvState is the observable per-conversation lifecycle. Idle is both the
// initial and the resting state between exchanges.
type ConvState string

const (
	StateIdle      ConvState = "idle"
	StateSending   ConvState = "sending"
	StateStreaming ConvState = "streaming"
)

// Identity is the signed-in user a controller operation acts for. It is
// passed explicitly into every call; the controller holds no ambient session
// state.
type Identity struct {
	UserID   uint
	Username string
}

func (id Identity) Valid() bool {
	return id.UserID != 0
}

type ConversationStore interface {
	Create(conversation *model.Conversation) error
	ListByUserID(userID uint) ([]model.Conversation, error)
	GetByIDAndUserID(conversationID, userID uint) (*model.Conversation, error)
	UpdateTitle(conversationID, userID uint, title string) error
	DeleteByIDAndUserID(conversationID, userID uint) error
}

type MessageStore interface {
	ListByConversationID(conversationID uint, limit int) ([]model.Message, error)
	DeleteByConversationID(conversationID uint) error
}

type AsyncMessagePublisher interface {
	Publish(ctx context.Context, msg model.Message) error
}

type HistoryCache interface {
	GetHistory(ctx context.Context, conversationID uint) ([]model.Message, bool, error)
	SetHistory(ctx context.Context, conversationID uint, messages []model.Message) error
	DeleteHistory(ctx context.Context, conversationID uint) error
	MarkDirty(ctx context.Context, conversationID uint) error
	IsDirty(ctx context.Context, conversationID uint) (bool, error)
}

type AgentCaller interface {
	Complete(ctx context.Context, req agent.Request) (agent.Result, error)
	StreamComplete(ctx context.Context, req agent.Request, onText func(delta string) error) (agent.Result, error)
}

type AttachmentInspector interface {
	Inspect(attachments []model.FileAttachment) ([]model.FileAttachment, error)
}

// ControllerOptions is the controller's entire environment coupling: how to
// talk to the agent and how long one exchange may take.
type ControllerOptions struct {
	Streaming bool
	Timeout   time.Duration
	Logger    *zap.Logger
}

// ChatController owns the message exchange lifecycle: persist the human
// message, invoke the agent endpoint, accumulate the reply draft, and commit
// or discard it. At most one exchange may be in flight per conversation;
// the draft belongs exclusively to that exchange and is never observable
// outside it except through the caller's chunk callback.
type ChatController struct {
	conversations ConversationStore
	messages      MessageStore
	publisher     AsyncMessagePublisher
	historyCache  HistoryCache
	agentClient   AgentCaller
	inspector     AttachmentInspector
	streaming     bool
	timeout       time.Duration
	logger        *zap.Logger

	mu       sync.Mutex
	inflight map[uint]*exchange
}

// exchange is the transient state of one in-flight send: the cancel handle
// for its agent request and the draft being assembled from stream chunks.
type exchange struct {
	userID uint
	state  ConvState
	cancel context.CancelFunc
	draft  strings.Builder
}

type SendMessageInput struct {
	ConversationID uint
	Text           string
	Attachments    []model.FileAttachment
}

// ExchangeResult is one completed exchange: the human message and the
// committed assistant message, in display order.
type ExchangeResult struct {
	ConversationID uint             `json:"conversation_id"`
	HumanMessage   model.Message    `json:"human_message"`
	AIMessage      model.Message    `json:"ai_message"`
	Citations      []agent.Citation `json:"citations,omitempty"`
	RequestID      string           `json:"request_id"`
}

func NewChatController(
	conversations ConversationStore,
	messages MessageStore,
	publisher AsyncMessagePublisher,
	historyCache HistoryCache,
	agentClient AgentCaller,
	inspector AttachmentInspector,
	opts ControllerOptions,
) *ChatController {
	if opts.Timeout <= 0 {
		opts.Timeout = 90 * time.Second
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	return &ChatController{
		conversations: conversations,
		messages:      messages,
		publisher:     publisher,
		historyCache:  historyCache,
		agentClient:   agentClient,
		inspector:     inspector,
		streaming:     opts.Streaming,
		timeout:       opts.Timeout,
		logger:        opts.Logger,
		inflight:      make(map[uint]*exchange),
	}
}

// State reports the lifecycle state of a conversation. Any conversation
// without an in-flight exchange is Idle.
func (c *ChatController) State(conversationID uint) ConvState {
	c.mu.Lock()
	defer c.mu.Unlock()
	if ex, ok := c.inflight[conversationID]; ok {
		return ex.state
	}
	return StateIdle
}

func (c *ChatController) CreateConversation(id Identity, title string) (*model.Conversation, error) {
	if !id.Valid() {
		return nil, ErrNoIdentity
	}

	title = strings.TrimSpace(title)
	if title == "" {
		title = "New Chat"
	}

	conversation := &model.Conversation{
		UserID: id.UserID,
		Title:  title,
	}
	if err := c.conversations.Create(conversation); err != nil {
		return nil, err
	}
	return conversation, nil
}

func (c *ChatController) ListConversations(id Identity) ([]model.Conversation, error) {
	if !id.Valid() {
		return nil, ErrNoIdentity
	}
	return c.conversations.ListByUserID(id.UserID)
}

// RenameConversation updates the title, the only mutable conversation field.
func (c *ChatController) RenameConversation(id Identity, conversationID uint, title string) error {
	if !id.Valid() {
		return ErrNoIdentity
	}
	title = strings.TrimSpace(title)
	if conversationID == 0 || title == "" {
		return ErrInvalidInput
	}
	conversation, err := c.conversations.GetByIDAndUserID(conversationID, id.UserID)
	if err != nil {
		return err
	}
	if conversation == nil {
		return ErrConversationNotFound
	}
	return c.conversations.UpdateTitle(conversationID, id.UserID, title)
}

// DeleteConversation removes a conversation and its messages. It is refused
// while the conversation has an exchange in flight; the caller must cancel
// first.
func (c *ChatController) DeleteConversation(id Identity, conversationID uint) error {
	if !id.Valid() {
		return ErrNoIdentity
	}
	if conversationID == 0 {
		return ErrInvalidInput
	}

	c.mu.Lock()
	_, busy := c.inflight[conversationID]
	c.mu.Unlock()
	if busy {
		return ErrConversationBusy
	}

	conversation, err := c.conversations.GetByIDAndUserID(conversationID, id.UserID)
	if err != nil {
		return err
	}
	if conversation == nil {
		return ErrConversationNotFound
	}

	if err := c.messages.DeleteByConversationID(conversationID); err != nil {
		return err
	}
	if err := c.conversations.DeleteByIDAndUserID(conversationID, id.UserID); err != nil {
		return err
	}
	if c.historyCache != nil {
		_ = c.historyCache.DeleteHistory(context.Background(), conversationID)
	}
	return nil
}

// CancelActiveStream aborts the in-flight exchange of a conversation, if the
// caller owns one. Idempotent: cancelling an idle conversation is a no-op.
func (c *ChatController) CancelActiveStream(id Identity, conversationID uint) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if ex, ok := c.inflight[conversationID]; ok && ex.userID == id.UserID {
		ex.cancel()
	}
}

// SwitchConversation makes conversationID the caller's active conversation:
// any exchange the caller has in flight on a different conversation is
// cancelled before the new conversation's history is loaded.
func (c *ChatController) SwitchConversation(ctx context.Context, id Identity, conversationID uint, limit int) ([]model.Message, error) {
	if !id.Valid() {
		return nil, ErrNoIdentity
	}
	if conversationID == 0 {
		return nil, ErrInvalidInput
	}

	c.mu.Lock()
	for otherID, ex := range c.inflight {
		if ex.userID == id.UserID && otherID != conversationID {
			ex.cancel()
		}
	}
	c.mu.Unlock()

	conversation, err := c.conversations.GetByIDAndUserID(conversationID, id.UserID)
	if err != nil {
		return nil, err
	}
	if conversation == nil {
		return nil, ErrConversationNotFound
	}

	return c.history(ctx, conversationID, limit)
}

// history serves from the Redis cache unless a dirty marker says recent
// writes may not have landed yet.
func (c *ChatController) history(ctx context.Context, conversationID uint, limit int) ([]model.Message, error) {
	if c.historyCache != nil {
		dirty, err := c.historyCache.IsDirty(ctx, conversationID)
		if err == nil && !dirty {
			if cached, hit, cacheErr := c.historyCache.GetHistory(ctx, conversationID); cacheErr == nil && hit {
				return trimMessages(cached, limit), nil
			}
		}
	}

	messages, err := c.messages.ListByConversationID(conversationID, limit)
	if err != nil {
		return nil, err
	}
	if c.historyCache != nil {
		if dirty, dirtyErr := c.historyCache.IsDirty(ctx, conversationID); dirtyErr == nil && !dirty {
			_ = c.historyCache.SetHistory(ctx, conversationID, messages)
		}
	}
	return messages, nil
}

// SendMessage runs one full exchange. The human message is appended (and
// queued for persistence) before the agent is invoked; the assistant reply is
// committed only after the stream terminates successfully. onChunk, when
// non-nil, observes every text delta in arrival order.
//
// A zero ConversationID creates a new conversation titled from the text, per
// the "created on first sent message" lifecycle.
func (c *ChatController) SendMessage(ctx context.Context, id Identity, input SendMessageInput, onChunk func(delta string) error) (*ExchangeResult, error) {
	if !id.Valid() {
		return nil, ErrNoIdentity
	}

	text := strings.TrimSpace(input.Text)
	if text == "" && len(input.Attachments) == 0 {
		return nil, ErrEmptyMessage
	}

	var attachments []model.FileAttachment
	if c.inspector != nil {
		var err error
		attachments, err = c.inspector.Inspect(input.Attachments)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrInvalidAttachment, err)
		}
	} else {
		attachments = input.Attachments
	}

	conversationID := input.ConversationID
	if conversationID == 0 {
		conversation, err := c.CreateConversation(id, titleFromText(text))
		if err != nil {
			return nil, err
		}
		conversationID = conversation.ID
	} else {
		conversation, err := c.conversations.GetByIDAndUserID(conversationID, id.UserID)
		if err != nil {
			return nil, err
		}
		if conversation == nil {
			return nil, ErrConversationNotFound
		}
	}

	ex, streamCtx, err := c.acquire(ctx, id, conversationID)
	if err != nil {
		return nil, err
	}
	defer c.release(conversationID, ex)

	humanMessage := model.Message{
		ConversationID: conversationID,
		UserID:         id.UserID,
		Role:           model.RoleHuman,
		Content:        text,
		CreatedAt:      time.Now(),
	}
	humanMessage.SetAttachments(attachments)

	if c.publisher == nil {
		return nil, ErrMessageEnqueue
	}
	if c.historyCache != nil {
		_ = c.historyCache.MarkDirty(ctx, conversationID)
		_ = c.historyCache.DeleteHistory(ctx, conversationID)
	}
	if err := c.publisher.Publish(ctx, humanMessage); err != nil {
		return nil, ErrMessageEnqueue
	}

	req := agent.Request{
		ConversationID: conversationID,
		RequestID:      uuid.NewString(),
		UserID:         id.UserID,
		Query:          text,
		Files:          attachments,
	}

	ex.state = StateStreaming
	result, err := c.callAgent(streamCtx, ex, req, onChunk)
	if err != nil {
		// The draft dies with the exchange; the human message stays so the
		// user can retry.
		return nil, c.classifyAgentError(streamCtx, err)
	}

	// An empty reply is a degenerate valid reply, committed as is.
	aiMessage := model.Message{
		ConversationID: conversationID,
		UserID:         id.UserID,
		Role:           model.RoleAI,
		Content:        result.Content,
		CreatedAt:      time.Now(),
	}
	if err := c.publisher.Publish(ctx, aiMessage); err != nil {
		return nil, ErrMessageEnqueue
	}
	if c.historyCache != nil {
		_ = c.historyCache.MarkDirty(ctx, conversationID)
	}

	return &ExchangeResult{
		ConversationID: conversationID,
		HumanMessage:   humanMessage,
		AIMessage:      aiMessage,
		Citations:      result.Citations,
		RequestID:      req.RequestID,
	}, nil
}

// callAgent drives one agent exchange through whichever mode is configured.
// Both modes feed the same draft and the same commit path; non-streaming mode
// is a chunk sequence of length one.
func (c *ChatController) callAgent(ctx context.Context, ex *exchange, req agent.Request, onChunk func(string) error) (agent.Result, error) {
	if c.streaming {
		return c.agentClient.StreamComplete(ctx, req, func(delta string) error {
			ex.draft.WriteString(delta)
			if onChunk != nil {
				return onChunk(delta)
			}
			return nil
		})
	}

	result, err := c.agentClient.Complete(ctx, req)
	if err != nil {
		return agent.Result{}, err
	}
	ex.draft.WriteString(result.Content)
	if onChunk != nil {
		if err := onChunk(result.Content); err != nil {
			return agent.Result{}, err
		}
	}
	return result, nil
}

func (c *ChatController) acquire(ctx context.Context, id Identity, conversationID uint) (*exchange, context.Context, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, busy := c.inflight[conversationID]; busy {
		return nil, nil, ErrConversationBusy
	}

	streamCtx, cancel := context.WithTimeout(ctx, c.timeout)
	ex := &exchange{
		userID: id.UserID,
		state:  StateSending,
		cancel: cancel,
	}
	c.inflight[conversationID] = ex
	return ex, streamCtx, nil
}

func (c *ChatController) release(conversationID uint, ex *exchange) {
	c.mu.Lock()
	delete(c.inflight, conversationID)
	c.mu.Unlock()
	ex.cancel()
}

// classifyAgentError folds every agent failure into the error taxonomy.
// Context cancellation means the user (or a conversation switch) aborted the
// stream; a deadline means the exchange timed out and counts as a transport
// failure.
func (c *ChatController) classifyAgentError(streamCtx context.Context, err error) error {
	switch {
	case errors.Is(err, context.Canceled), errors.Is(streamCtx.Err(), context.Canceled):
		return ErrStreamCancelled
	case errors.Is(err, agent.ErrProtocol):
		return fmt.Errorf("%w: %v", ErrStreamProtocol, err)
	default:
		return fmt.Errorf("%w: %v", ErrAgentUnreachable, err)
	}
}

func trimMessages(messages []model.Message, limit int) []model.Message {
	if limit <= 0 || limit >= len(messages) {
		return messages
	}
	return messages[len(messages)-limit:]
}

func titleFromText(text string) string {
	const maxTitle = 60
	if text == "" {
		return "New Chat"
	}
	runes := []rune(text)
	if len(runes) > maxTitle {
		return string(runes[:maxTitle]) + "..."
	}
	return text
}

package handler

import (
	"errors"
	"net/http"
	"strconv"
	"strings"

	"github.com/gin-gonic/gin"

	"agentbridge/internal/app"
	"agentbridge/internal/model"
	"agentbridge/internal/transport/http/middleware"
	"agentbridge/internal/transport/http/response"
)

type ChatHandler struct {
	controller *app.ChatController
}

type CreateConversationRequest struct {
	Title string `json:"title" binding:"max=128"`
}

type RenameConversationRequest struct {
	Title string `json:"title" binding:"required,max=128"`
}

type AttachmentRequest struct {
	Name     string `json:"name" binding:"required"`
	MimeType string `json:"mime_type"`
	Data     string `json:"data" binding:"required"`
}

type SendMessageRequest struct {
	ConversationID uint                `json:"conversation_id"`
	Text           string              `json:"text"`
	Attachments    []AttachmentRequest `json:"attachments" binding:"max=8,dive"`
}

func NewChatHandler(controller *app.ChatController) *ChatHandler {
	return &ChatHandler{controller: controller}
}

func (h *ChatHandler) CreateConversation(c *gin.Context) {
	identity, ok := middleware.IdentityFromContext(c)
	if !ok {
		response.Error(c, http.StatusUnauthorized, response.CodeUnauthorized, "invalid token payload")
		return
	}

	var req CreateConversationRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.Error(c, http.StatusBadRequest, response.CodeBadRequest, "invalid request payload")
		return
	}

	conversation, err := h.controller.CreateConversation(identity, req.Title)
	if err != nil {
		h.writeError(c, err, "create conversation failed")
		return
	}

	response.OK(c, conversation)
}

func (h *ChatHandler) ListConversations(c *gin.Context) {
	identity, ok := middleware.IdentityFromContext(c)
	if !ok {
		response.Error(c, http.StatusUnauthorized, response.CodeUnauthorized, "invalid token payload")
		return
	}

	conversations, err := h.controller.ListConversations(identity)
	if err != nil {
		h.writeError(c, err, "list conversations failed")
		return
	}

	response.OK(c, conversations)
}

func (h *ChatHandler) RenameConversation(c *gin.Context) {
	identity, ok := middleware.IdentityFromContext(c)
	if !ok {
		response.Error(c, http.StatusUnauthorized, response.CodeUnauthorized, "invalid token payload")
		return
	}

	conversationID, ok := pathConversationID(c)
	if !ok {
		response.Error(c, http.StatusBadRequest, response.CodeBadRequest, "invalid conversation id")
		return
	}

	var req RenameConversationRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.Error(c, http.StatusBadRequest, response.CodeBadRequest, "invalid request payload")
		return
	}

	if err := h.controller.RenameConversation(identity, conversationID, req.Title); err != nil {
		h.writeError(c, err, "rename conversation failed")
		return
	}

	response.OK(c, gin.H{"conversation_id": conversationID, "title": strings.TrimSpace(req.Title)})
}

func (h *ChatHandler) DeleteConversation(c *gin.Context) {
	identity, ok := middleware.IdentityFromContext(c)
	if !ok {
		response.Error(c, http.StatusUnauthorized, response.CodeUnauthorized, "invalid token payload")
		return
	}

	conversationID, ok := pathConversationID(c)
	if !ok {
		response.Error(c, http.StatusBadRequest, response.CodeBadRequest, "invalid conversation id")
		return
	}

	if err := h.controller.DeleteConversation(identity, conversationID); err != nil {
		h.writeError(c, err, "delete conversation failed")
		return
	}

	response.OK(c, gin.H{"deleted_conversation_id": conversationID})
}

// GetMessages is the switch operation: it cancels any stream the caller has
// running elsewhere and returns this conversation's history.
func (h *ChatHandler) GetMessages(c *gin.Context) {
	identity, ok := middleware.IdentityFromContext(c)
	if !ok {
		response.Error(c, http.StatusUnauthorized, response.CodeUnauthorized, "invalid token payload")
		return
	}

	conversationID, ok := pathConversationID(c)
	if !ok {
		response.Error(c, http.StatusBadRequest, response.CodeBadRequest, "invalid conversation id")
		return
	}

	limit := 100
	if raw := c.Query("limit"); raw != "" {
		if parsed, parseErr := strconv.Atoi(raw); parseErr == nil {
			limit = parsed
		}
	}

	messages, err := h.controller.SwitchConversation(c.Request.Context(), identity, conversationID, limit)
	if err != nil {
		h.writeError(c, err, "load conversation failed")
		return
	}

	response.OK(c, messages)
}

func (h *ChatHandler) CancelStream(c *gin.Context) {
	identity, ok := middleware.IdentityFromContext(c)
	if !ok {
		response.Error(c, http.StatusUnauthorized, response.CodeUnauthorized, "invalid token payload")
		return
	}

	conversationID, ok := pathConversationID(c)
	if !ok {
		response.Error(c, http.StatusBadRequest, response.CodeBadRequest, "invalid conversation id")
		return
	}

	h.controller.CancelActiveStream(identity, conversationID)
	response.OK(c, gin.H{"conversation_id": conversationID, "state": h.controller.State(conversationID)})
}

// SendMessage runs a full exchange and returns both messages at once.
func (h *ChatHandler) SendMessage(c *gin.Context) {
	identity, ok := middleware.IdentityFromContext(c)
	if !ok {
		response.Error(c, http.StatusUnauthorized, response.CodeUnauthorized, "invalid token payload")
		return
	}

	var req SendMessageRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.Error(c, http.StatusBadRequest, response.CodeBadRequest, "invalid request payload")
		return
	}

	result, err := h.controller.SendMessage(c.Request.Context(), identity, sendInput(req), nil)
	if err != nil {
		h.writeError(c, err, "send message failed")
		return
	}

	response.OK(c, result)
}

// StreamMessage runs an exchange and relays every chunk to the browser as a
// server-sent event. Failures after the stream has started surface as an
// inline "error" event; a committed exchange ends with a "done" event.
func (h *ChatHandler) StreamMessage(c *gin.Context) {
	identity, ok := middleware.IdentityFromContext(c)
	if !ok {
		response.Error(c, http.StatusUnauthorized, response.CodeUnauthorized, "invalid token payload")
		return
	}

	var req SendMessageRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.Error(c, http.StatusBadRequest, response.CodeBadRequest, "invalid request payload")
		return
	}

	c.Header("Content-Type", "text/event-stream")
	c.Header("Cache-Control", "no-cache")
	c.Header("Connection", "keep-alive")
	c.Header("X-Accel-Buffering", "no")

	flusher, ok := c.Writer.(http.Flusher)
	if !ok {
		response.Error(c, http.StatusInternalServerError, response.CodeInternalServer, "stream not supported")
		return
	}

	result, err := h.controller.SendMessage(c.Request.Context(), identity, sendInput(req), func(delta string) error {
		if _, writeErr := c.Writer.Write([]byte("data: " + sanitizeSSE(delta) + "\n\n")); writeErr != nil {
			return writeErr
		}
		flusher.Flush()
		return nil
	})
	if err != nil {
		if errors.Is(err, app.ErrStreamCancelled) {
			// Expected outcome of an explicit cancel or a conversation
			// switch; nothing to show the user.
			return
		}
		if _, writeErr := c.Writer.Write([]byte("event: error\ndata: " + sanitizeSSE(streamErrorMessage(err)) + "\n\n")); writeErr == nil {
			flusher.Flush()
		}
		return
	}

	if _, writeErr := c.Writer.Write([]byte("event: done\ndata: " + sanitizeSSE(result.AIMessage.Content) + "\n\n")); writeErr == nil {
		flusher.Flush()
	}
}

func sendInput(req SendMessageRequest) app.SendMessageInput {
	attachments := make([]model.FileAttachment, 0, len(req.Attachments))
	for _, att := range req.Attachments {
		attachments = append(attachments, model.FileAttachment{
			Name:     att.Name,
			MimeType: att.MimeType,
			Data:     att.Data,
		})
	}
	return app.SendMessageInput{
		ConversationID: req.ConversationID,
		Text:           req.Text,
		Attachments:    attachments,
	}
}

// writeError maps the controller's error taxonomy onto HTTP statuses.
func (h *ChatHandler) writeError(c *gin.Context, err error, fallback string) {
	switch {
	case errors.Is(err, app.ErrNoIdentity):
		response.Error(c, http.StatusUnauthorized, response.CodeUnauthorized, err.Error())
	case errors.Is(err, app.ErrInvalidInput),
		errors.Is(err, app.ErrEmptyMessage),
		errors.Is(err, app.ErrInvalidAttachment):
		response.Error(c, http.StatusBadRequest, response.CodeBadRequest, err.Error())
	case errors.Is(err, app.ErrConversationBusy):
		response.Error(c, http.StatusConflict, response.CodeConversationBusy, err.Error())
	case errors.Is(err, app.ErrConversationNotFound):
		response.Error(c, http.StatusNotFound, response.CodeConversationNotFound, err.Error())
	case errors.Is(err, app.ErrAgentUnreachable), errors.Is(err, app.ErrStreamProtocol):
		response.Error(c, http.StatusBadGateway, response.CodeAgentUpstream, err.Error())
	case errors.Is(err, app.ErrMessageEnqueue):
		response.Error(c, http.StatusServiceUnavailable, response.CodeInternalServer, err.Error())
	case errors.Is(err, app.ErrStreamCancelled):
		// Cancellation is not a failure; report the resting state.
		response.OK(c, gin.H{"cancelled": true})
	default:
		response.Error(c, http.StatusInternalServerError, response.CodeInternalServer, fallback)
	}
}

func streamErrorMessage(err error) string {
	switch {
	case errors.Is(err, app.ErrStreamProtocol):
		return "the assistant's reply could not be read; please retry"
	case errors.Is(err, app.ErrAgentUnreachable):
		return "the assistant is unreachable; your message was kept, please retry"
	case errors.Is(err, app.ErrConversationBusy):
		return "a reply is already being generated for this conversation"
	default:
		return "send message failed"
	}
}

func pathConversationID(c *gin.Context) (uint, bool) {
	id64, err := strconv.ParseUint(c.Param("id"), 10, 64)
	if err != nil || id64 == 0 {
		return 0, false
	}
	return uint(id64), true
}

func sanitizeSSE(input string) string {
	replaced := strings.ReplaceAll(input, "\r\n", "\\n")
	replaced = strings.ReplaceAll(replaced, "\n", "\\n")
	return replaced
}

// Package agent talks to the external agent endpoint. The endpoint accepts a
// chat request and replies either as a single JSON document or as a
// server-sent event stream of typed events. Events are validated against the
// schema below at this boundary; nothing loosely typed leaves the package.
package agent

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"

	"agentbridge/internal/model"
)

// ErrProtocol marks a response body the client could read but not interpret:
// an undecodable event payload or an unknown event type. Callers treat it
// like a transport failure and must not keep partial output.
var ErrProtocol = errors.New("agent stream protocol error")

// Event types the endpoint may emit on a stream.
const (
	EventText     = "text"
	EventCitation = "citation"
	EventDone     = "done"
	EventError    = "error"
)

type Config struct {
	EndpointURL string
	APIKey      string
}

// Request is one exchange sent to the agent endpoint. Files carry the
// attachments exactly as received from the user, plus any locally derived
// annotation.
type Request struct {
	ConversationID uint                   `json:"conversation_id"`
	RequestID      string                 `json:"request_id"`
	UserID         uint                   `json:"user_id"`
	Query          string                 `json:"query"`
	Files          []model.FileAttachment `json:"files,omitempty"`
}

// Event is one decoded unit of a streaming response.
type Event struct {
	Type     string    `json:"type"`
	Text     string    `json:"text,omitempty"`
	Citation *Citation `json:"citation,omitempty"`
	Message  string    `json:"message,omitempty"` // set for type "error"
}

type Citation struct {
	Title string `json:"title"`
	URL   string `json:"url"`
}

// Result is the reconciled outcome of one exchange. Content is exactly the
// concatenation, in arrival order, of every text event the stream carried.
type Result struct {
	Content   string
	Citations []Citation
}

type Client struct {
	cfg        Config
	httpClient *http.Client
}

// New builds a client. The per-exchange deadline is the caller's business:
// pass it in through the request context, not through the http.Client.
func New(cfg Config) *Client {
	return &Client{
		cfg:        cfg,
		httpClient: &http.Client{},
	}
}

// Complete performs a non-streaming exchange: one request, one JSON reply of
// the shape {"content": "..."}.
func (c *Client) Complete(ctx context.Context, req Request) (Result, error) {
	resp, err := c.post(ctx, req, false)
	if err != nil {
		return Result{}, err
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return Result{}, fmt.Errorf("read agent response failed: %w", err)
	}
	if resp.StatusCode >= 300 {
		return Result{}, fmt.Errorf("agent response status %d: %s", resp.StatusCode, truncateBody(raw))
	}

	var parsed struct {
		Content *string `json:"content"`
	}
	if err := json.Unmarshal(raw, &parsed); err != nil || parsed.Content == nil {
		return Result{}, fmt.Errorf("%w: unreadable completion body", ErrProtocol)
	}
	return Result{Content: *parsed.Content}, nil
}

// StreamComplete performs a streaming exchange. Every text delta is handed to
// onText in arrival order before the next chunk is read; a terminal "done"
// event or natural stream end completes the exchange. An error from onText
// aborts consumption and is returned as is.
func (c *Client) StreamComplete(ctx context.Context, req Request, onText func(delta string) error) (Result, error) {
	resp, err := c.post(ctx, req, true)
	if err != nil {
		return Result{}, err
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		raw, _ := io.ReadAll(resp.Body)
		return Result{}, fmt.Errorf("agent stream status %d: %s", resp.StatusCode, truncateBody(raw))
	}

	scanner := bufio.NewScanner(resp.Body)
	scanner.Buffer(make([]byte, 0, 64*1024), 2*1024*1024)

	var result Result
	var content strings.Builder
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, ":") {
			continue
		}
		if !strings.HasPrefix(line, "data:") {
			continue
		}
		payload := strings.TrimSpace(strings.TrimPrefix(line, "data:"))
		if payload == "[DONE]" {
			break
		}

		event, err := decodeEvent(payload)
		if err != nil {
			return Result{}, err
		}

		switch event.Type {
		case EventText:
			content.WriteString(event.Text)
			if onText != nil {
				if err := onText(event.Text); err != nil {
					return Result{}, err
				}
			}
		case EventCitation:
			if event.Citation != nil {
				result.Citations = append(result.Citations, *event.Citation)
			}
		case EventError:
			return Result{}, fmt.Errorf("agent reported error: %s", event.Message)
		case EventDone:
			result.Content = content.String()
			return result, nil
		}
	}
	if err := scanner.Err(); err != nil {
		// Surface the context error so cancellation stays distinguishable
		// from a broken connection.
		if ctxErr := ctx.Err(); ctxErr != nil {
			return Result{}, ctxErr
		}
		return Result{}, fmt.Errorf("scan agent stream failed: %w", err)
	}

	// Stream closed without a done event. An empty or truncated-but-clean
	// close still counts as the reply; the endpoint signals real failures
	// with an error event or a non-2xx status.
	result.Content = content.String()
	return result, nil
}

func (c *Client) post(ctx context.Context, req Request, stream bool) (*http.Response, error) {
	body := struct {
		Request
		Stream bool `json:"stream"`
	}{Request: req, Stream: stream}

	bodyBytes, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("marshal agent request failed: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.cfg.EndpointURL, bytes.NewReader(bodyBytes))
	if err != nil {
		return nil, fmt.Errorf("build agent request failed: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	if c.cfg.APIKey != "" {
		httpReq.Header.Set("Authorization", "Bearer "+c.cfg.APIKey)
	}
	if stream {
		httpReq.Header.Set("Accept", "text/event-stream")
	}

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return nil, ctxErr
		}
		return nil, fmt.Errorf("agent request failed: %w", err)
	}
	return resp, nil
}

func decodeEvent(payload string) (Event, error) {
	var event Event
	if err := json.Unmarshal([]byte(payload), &event); err != nil {
		return Event{}, fmt.Errorf("%w: undecodable event payload", ErrProtocol)
	}
	switch event.Type {
	case EventText, EventCitation, EventDone, EventError:
		return event, nil
	default:
		return Event{}, fmt.Errorf("%w: unknown event type %q", ErrProtocol, event.Type)
	}
}

func truncateBody(raw []byte) string {
	const max = 512
	if len(raw) > max {
		return string(raw[:max]) + "..."
	}
	return string(raw)
}

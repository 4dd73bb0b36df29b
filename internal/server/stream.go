package server

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"

	"github.com/labstack/echo/v4"
	"go.uber.org/zap"

	"chatrelay/internal/fence"
	"chatrelay/internal/models"
	"chatrelay/internal/orchestrator"
	"chatrelay/internal/translator"
)

// handleChatStream relays a streaming completion as server-sent events,
// one event per orchestrator event, named after its type.
func (s *Server) handleChatStream(c echo.Context) error {
	userID, err := requireUser(c)
	if err != nil {
		return err
	}

	var req translator.ChatRequest
	if err := decodeRequestBody(c, &req); err != nil {
		return err
	}

	ctx, cancel := context.WithCancel(c.Request().Context())
	defer cancel()

	// Configuration errors surface as a plain JSON error before any byte of
	// the stream is written.
	events, err := s.chat.Stream(ctx, req.ToCompletion(userID))
	if err != nil {
		return toHTTPError(err)
	}

	flusher, err := startSSE(c)
	if err != nil {
		cancel()
		drain(events)
		return err
	}

	w := c.Response()
	for ev := range events {
		if err := writeSSEEvent(w, string(ev.Type), translator.FromEvent(ev)); err != nil {
			s.logger.Warn("write stream event", zap.String("event", string(ev.Type)), zap.Error(err))
			cancel()
			drain(events)
			return nil
		}
		flusher.Flush()
	}
	return nil
}

// writeClaudeStream renders a completion stream in the Anthropic messages
// event format. Code deltas are re-fenced so the client sees the raw text.
// cancel stops the producer once the client can no longer be written to.
func (s *Server) writeClaudeStream(c echo.Context, id, model string, events <-chan orchestrator.Event, cancel context.CancelFunc) error {
	flusher, err := startSSE(c)
	if err != nil {
		cancel()
		drain(events)
		return err
	}
	w := c.Response()

	send := func(name string, payload any) bool {
		if err := writeSSEEvent(w, name, payload); err != nil {
			s.logger.Warn("write claude stream event", zap.String("event", name), zap.Error(err))
			return false
		}
		flusher.Flush()
		return true
	}

	ok := send("message_start", map[string]any{
		"type": "message_start",
		"message": map[string]any{
			"id":            id,
			"type":          "message",
			"role":          models.RoleAssistant,
			"model":         model,
			"content":       []any{},
			"stop_reason":   nil,
			"stop_sequence": nil,
			"usage":         translator.ClaudeUsage{},
		},
	}) && send("content_block_start", map[string]any{
		"type":          "content_block_start",
		"index":         0,
		"content_block": map[string]any{"type": "text", "text": ""},
	})

	for ev := range events {
		if !ok {
			cancel()
			continue
		}
		switch ev.Type {
		case orchestrator.EventTextDelta, orchestrator.EventCodeStart, orchestrator.EventCodeDelta, orchestrator.EventCodeEnd:
			text := fence.Reconstruct([]models.StreamDelta{*ev.Delta})
			ok = send("content_block_delta", map[string]any{
				"type":  "content_block_delta",
				"index": 0,
				"delta": map[string]any{"type": "text_delta", "text": text},
			})
		case orchestrator.EventDone:
			var usage translator.ClaudeUsage
			if ev.Metadata != nil {
				usage = translator.ClaudeUsageFrom(ev.Metadata.Usage)
			}
			ok = send("content_block_stop", map[string]any{"type": "content_block_stop", "index": 0}) &&
				send("message_delta", map[string]any{
					"type":  "message_delta",
					"delta": map[string]any{"stop_reason": "end_turn", "stop_sequence": nil},
					"usage": usage,
				}) &&
				send("message_stop", map[string]any{"type": "message_stop"})
		case orchestrator.EventError:
			msg := "upstream provider error"
			if ev.Error != nil {
				msg = ev.Error.Error()
			}
			ok = send("error", map[string]any{
				"type":  "error",
				"error": map[string]any{"type": "api_error", "message": msg},
			})
		}
	}
	return nil
}

func startSSE(c echo.Context) (http.Flusher, error) {
	flusher, ok := c.Response().Writer.(http.Flusher)
	if !ok {
		return nil, requestError{
			Status:  http.StatusInternalServerError,
			Message: "server does not support streaming responses",
			Type:    "server_error",
		}
	}

	header := c.Response().Header()
	header.Set("Content-Type", "text/event-stream")
	header.Set("Cache-Control", "no-cache")
	header.Set("Connection", "keep-alive")
	header.Set("X-Accel-Buffering", "no")

	c.Response().WriteHeader(http.StatusOK)
	flusher.Flush()
	return flusher, nil
}

// drain consumes the rest of a stream so its producer can finish and
// persist. Callers cancel the producer's context first.
func drain(events <-chan orchestrator.Event) {
	for range events {
	}
}

func writeSSEEvent(w io.Writer, event string, payload any) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal SSE payload: %w", err)
	}
	if _, err := fmt.Fprintf(w, "event: %s\n", event); err != nil {
		return fmt.Errorf("write SSE event name: %w", err)
	}
	if _, err := fmt.Fprintf(w, "data: %s\n\n", data); err != nil {
		return fmt.Errorf("write SSE data: %w", err)
	}
	return nil
}

package server

import (
	"context"
	"errors"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
	"github.com/labstack/echo/v4"
	"go.uber.org/zap"

	"chatrelay/internal/orchestrator"
	"chatrelay/internal/translator"
)

const (
	wsRequestTimeout = 30 * time.Second
	wsWriteTimeout   = 10 * time.Second
)

// handleChatSocket serves one completion per connection: the first client
// frame is the request, every following server frame is one event. Closing
// the socket cancels the completion.
func (s *Server) handleChatSocket(c echo.Context) error {
	userID, err := requireUser(c)
	if err != nil {
		return err
	}

	conn, err := websocket.Accept(c.Response(), c.Request(), nil)
	if err != nil {
		s.logger.Error("websocket accept failed", zap.Error(err))
		return nil
	}
	defer conn.CloseNow()

	readCtx, cancel := context.WithTimeout(c.Request().Context(), wsRequestTimeout)
	var req translator.ChatRequest
	err = wsjson.Read(readCtx, conn, &req)
	cancel()
	if err != nil {
		s.logger.Info("websocket request rejected", zap.Error(err))
		conn.Close(websocket.StatusPolicyViolation, truncateReason("invalid request: "+err.Error()))
		return nil
	}

	// CloseRead drains control frames and cancels ctx once the peer goes away.
	ctx := conn.CloseRead(c.Request().Context())

	events, err := s.chat.Stream(ctx, req.ToCompletion(userID))
	if err != nil {
		writeSocketError(ctx, conn, err)
		conn.Close(websocket.StatusPolicyViolation, "request failed")
		return nil
	}

	for ev := range events {
		if err := writeSocket(ctx, conn, translator.FromEvent(ev)); err != nil {
			if !errors.Is(err, context.Canceled) {
				s.logger.Warn("write websocket event", zap.String("event", string(ev.Type)), zap.Error(err))
			}
			drain(events)
			return nil
		}
	}

	conn.Close(websocket.StatusNormalClosure, "")
	return nil
}

func writeSocket(ctx context.Context, conn *websocket.Conn, payload translator.EventPayload) error {
	ctx, cancel := context.WithTimeout(ctx, wsWriteTimeout)
	defer cancel()
	return wsjson.Write(ctx, conn, payload)
}

func writeSocketError(ctx context.Context, conn *websocket.Conn, err error) {
	var reqErr requestError
	errors.As(toHTTPError(err), &reqErr)
	_ = writeSocket(ctx, conn, translator.EventPayload{
		Type:  string(orchestrator.EventError),
		Error: reqErr.Message,
	})
}

// truncateReason keeps close reasons inside the 123 byte limit of a close frame.
func truncateReason(reason string) string {
	if len(reason) > 120 {
		return reason[:120]
	}
	return reason
}

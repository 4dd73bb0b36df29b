package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"chatrelay/internal/config"
	"chatrelay/internal/metrics"
	"chatrelay/internal/models"
	"chatrelay/internal/orchestrator"
	"chatrelay/internal/provider"
	"chatrelay/internal/translator"
)

const (
	maxBodyBytes = 1 << 20 // 1 MiB
	readTimeout  = 30 * time.Second
	idleTimeout  = 120 * time.Second

	// userHeader carries the caller identity set by the authenticating proxy.
	userHeader = "X-User-ID"
)

// ChatService runs completions. *orchestrator.Orchestrator satisfies it.
type ChatService interface {
	Complete(ctx context.Context, req models.CompletionRequest) (*orchestrator.Result, error)
	Stream(ctx context.Context, req models.CompletionRequest) (<-chan orchestrator.Event, error)
}

// ModelCatalog lists the exposed models.
type ModelCatalog interface {
	Models() []models.ModelConfig
}

type Server struct {
	cfg     config.Config
	chat    ChatService
	catalog ModelCatalog
	app     *echo.Echo
	logger  *zap.Logger
	address string
}

// New constructs an HTTP server wired with routing and middleware.
func New(cfg config.Config, chat ChatService, catalog ModelCatalog, logger *zap.Logger) (*Server, error) {
	if chat == nil {
		return nil, errors.New("chat service must not be nil")
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	e := echo.New()
	e.HideBanner = true
	e.HidePort = true
	e.HTTPErrorHandler = jsonErrorHandler

	e.Pre(middleware.RemoveTrailingSlash())
	e.Use(middleware.Recover())
	e.Use(middleware.RequestLoggerWithConfig(middleware.RequestLoggerConfig{
		LogLatency:   true,
		LogMethod:    true,
		LogURI:       true,
		LogRoutePath: true,
		LogStatus:    true,
		LogError:     true,
		HandleError:  true,
		LogValuesFunc: func(c echo.Context, v middleware.RequestLoggerValues) error {
			metrics.ObserveHTTP(v.Method, v.RoutePath, strconv.Itoa(v.Status))
			fields := []zap.Field{
				zap.String("method", v.Method),
				zap.String("uri", v.URI),
				zap.Int("status", v.Status),
				zap.Int64("latency_ms", v.Latency.Milliseconds()),
			}
			if v.Error != nil {
				fields = append(fields, zap.Error(v.Error))
			}
			logger.Info("request", fields...)
			return nil
		},
	}))
	e.Use(middleware.SecureWithConfig(middleware.SecureConfig{
		XSSProtection:         "1; mode=block",
		ContentTypeNosniff:    "nosniff",
		XFrameOptions:         "DENY",
		HSTSMaxAge:            31536000,
		ContentSecurityPolicy: "default-src 'none'; frame-ancestors 'none'; form-action 'none'",
	}))

	srv := &Server{
		cfg:     cfg,
		chat:    chat,
		catalog: catalog,
		app:     e,
		logger:  logger,
		address: fmt.Sprintf(":%d", cfg.Server.Port),
	}

	srv.registerRoutes()

	return srv, nil
}

// Run starts the HTTP server and blocks until the context is cancelled.
func (s *Server) Run(ctx context.Context) error {
	printStartupBanner(s.cfg.Server.Port)
	s.logger.Info("starting server", zap.String("addr", s.address))

	// No write timeout: streamed replies outlive any fixed deadline and are
	// bounded by the client's context instead.
	httpServer := &http.Server{
		Addr:        s.address,
		Handler:     s.app,
		ReadTimeout: readTimeout,
		IdleTimeout: idleTimeout,
	}

	errCh := make(chan error, 1)
	go func() {
		if err := s.app.StartServer(httpServer); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
		grace := time.Duration(s.cfg.Server.ShutdownTimeoutSeconds) * time.Second
		shutdownCtx, cancel := context.WithTimeout(context.Background(), grace)
		defer cancel()
		if err := s.app.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("graceful shutdown failed: %w", err)
		}
		s.logger.Info("server shutdown complete")
		return nil
	case err := <-errCh:
		return err
	}
}

func (s *Server) registerRoutes() {
	s.app.GET("/health", s.handleHealth)
	s.app.GET("/metrics", echo.WrapHandler(promhttp.Handler()))
	s.app.GET("/v1/models", s.handleModels)
	s.app.POST("/v1/chat/completions", s.handleChatCompletions)
	s.app.POST("/v1/chat/stream", s.handleChatStream)
	s.app.GET("/v1/chat/ws", s.handleChatSocket)
	s.app.POST("/v1/messages", s.handleClaudeMessages)
}

func (s *Server) handleHealth(c echo.Context) error {
	return c.JSON(http.StatusOK, map[string]string{"status": "ok"})
}

type modelEntry struct {
	ID      string `json:"id"`
	Object  string `json:"object"`
	OwnedBy string `json:"owned_by"`
}

func (s *Server) handleModels(c echo.Context) error {
	var data []modelEntry
	if s.catalog != nil {
		for _, m := range s.catalog.Models() {
			data = append(data, modelEntry{ID: m.ID, Object: "model", OwnedBy: m.Provider})
		}
	}
	if data == nil {
		data = []modelEntry{}
	}
	return c.JSON(http.StatusOK, map[string]any{"object": "list", "data": data})
}

func (s *Server) handleChatCompletions(c echo.Context) error {
	userID, err := requireUser(c)
	if err != nil {
		return err
	}

	var req translator.ChatRequest
	if err := decodeRequestBody(c, &req); err != nil {
		return err
	}

	res, err := s.chat.Complete(c.Request().Context(), req.ToCompletion(userID))
	if err != nil {
		return toHTTPError(err)
	}

	return c.JSON(http.StatusOK, translator.FromResult("chatcmpl-"+uuid.NewString(), time.Now().Unix(), res))
}

func (s *Server) handleClaudeMessages(c echo.Context) error {
	userID, err := requireUser(c)
	if err != nil {
		return err
	}

	var req translator.ClaudeMessageRequest
	if err := decodeRequestBody(c, &req); err != nil {
		return err
	}

	ctx := c.Request().Context()
	id := "msg_" + strings.ReplaceAll(uuid.NewString(), "-", "")

	if req.Stream {
		streamCtx, cancel := context.WithCancel(ctx)
		defer cancel()
		events, err := s.chat.Stream(streamCtx, req.ToCompletion(userID))
		if err != nil {
			return toHTTPError(err)
		}
		return s.writeClaudeStream(c, id, req.Model, events, cancel)
	}

	res, err := s.chat.Complete(ctx, req.ToCompletion(userID))
	if err != nil {
		return toHTTPError(err)
	}
	return c.JSON(http.StatusOK, translator.FromResultClaude(id, res))
}

func requireUser(c echo.Context) (string, error) {
	userID := strings.TrimSpace(c.Request().Header.Get(userHeader))
	if userID == "" {
		return "", requestError{
			Status:  http.StatusUnauthorized,
			Message: userHeader + " header is required",
			Type:    "authentication_error",
		}
	}
	return userID, nil
}

func decodeRequestBody[T any](c echo.Context, target *T) error {
	req := c.Request()
	defer req.Body.Close()

	req.Body = http.MaxBytesReader(c.Response(), req.Body, maxBodyBytes)

	decoder := json.NewDecoder(req.Body)
	if err := decoder.Decode(target); err != nil {
		if errors.Is(err, io.EOF) {
			return requestError{
				Status:  http.StatusBadRequest,
				Message: "request body is required",
				Type:    "invalid_request_error",
			}
		}
		return requestError{
			Status:  http.StatusBadRequest,
			Message: fmt.Sprintf("invalid JSON payload: %v", err),
			Type:    "invalid_request_error",
		}
	}

	if err := decoder.Decode(&struct{}{}); err != io.EOF {
		return requestError{
			Status:  http.StatusBadRequest,
			Message: "request body must contain a single JSON object",
			Type:    "invalid_request_error",
		}
	}
	return nil
}

type requestError struct {
	Status  int
	Message string
	Type    string
	Code    string
}

func (e requestError) Error() string {
	return e.Message
}

type errorBody struct {
	Error struct {
		Message string `json:"message"`
		Type    string `json:"type"`
		Code    string `json:"code,omitempty"`
	} `json:"error"`
}

func writeError(c echo.Context, status int, message, errType, code string) error {
	var payload errorBody
	payload.Error.Message = message
	payload.Error.Type = errType
	payload.Error.Code = code
	return c.JSON(status, payload)
}

func jsonErrorHandler(err error, c echo.Context) {
	if c.Response().Committed {
		return
	}

	var reqErr requestError
	if errors.As(err, &reqErr) {
		_ = writeError(c, reqErr.Status, reqErr.Message, reqErr.Type, reqErr.Code)
		return
	}

	var he *echo.HTTPError
	if errors.As(err, &he) {
		_ = writeError(c, he.Code, fmt.Sprint(he.Message), "invalid_request_error", "")
		return
	}

	_ = writeError(c, http.StatusInternalServerError, "internal server error", "server_error", "")
}

// toHTTPError maps orchestrator and provider failures onto the response
// contract: configuration problems are the caller's fault, anything from
// upstream is a bad gateway.
func toHTTPError(err error) error {
	var reqErr requestError
	if errors.As(err, &reqErr) {
		return reqErr
	}

	var cfgErr *orchestrator.ConfigurationError
	if errors.As(err, &cfgErr) {
		if errors.Is(err, provider.ErrUnknownModel) {
			return requestError{
				Status:  http.StatusBadRequest,
				Message: err.Error(),
				Type:    "invalid_request_error",
				Code:    provider.ErrCodeModelNotFound,
			}
		}
		return requestError{
			Status:  http.StatusBadRequest,
			Message: err.Error(),
			Type:    "configuration_error",
		}
	}

	var provErr *provider.ProviderError
	if errors.As(err, &provErr) {
		return requestError{
			Status:  http.StatusBadGateway,
			Message: provErr.Error(),
			Type:    "upstream_error",
			Code:    provErr.Code,
		}
	}

	return requestError{
		Status:  http.StatusBadGateway,
		Message: "upstream provider error",
		Type:    "upstream_error",
	}
}

func printStartupBanner(port int) {
	host := "127.0.0.1"
	fmt.Println()
	fmt.Println("chatrelay ready")
	fmt.Printf("Listening on http://%s:%d\n", host, port)
	fmt.Println("Endpoints:")
	fmt.Println("  GET  /health")
	fmt.Println("  GET  /metrics")
	fmt.Println("  GET  /v1/models")
	fmt.Println("  POST /v1/chat/completions")
	fmt.Println("  POST /v1/chat/stream")
	fmt.Println("  GET  /v1/chat/ws")
	fmt.Println("  POST /v1/messages")
	fmt.Printf("Example:\n  curl -N http://%s:%d/v1/chat/stream -H 'X-User-ID: me' -H 'Content-Type: application/json' -d '{\"model\":\"gpt-4o\",\"messages\":[{\"role\":\"user\",\"content\":\"hello\"}]}'\n\n", host, port)
}

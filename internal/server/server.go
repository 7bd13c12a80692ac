// Package server is the HTTP transport: request decoding, the OpenAI error
// envelope, and SSE streaming.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"

	"converse-gateway/internal/config"
	"converse-gateway/internal/converse"
	"converse-gateway/internal/embeddings"
	"converse-gateway/internal/gateway"
	"converse-gateway/internal/registry"
	"converse-gateway/internal/retrieve"
	"converse-gateway/internal/schema"
	"converse-gateway/internal/translate"
)

const (
	maxBodyBytes        = 1 << 20 // 1 MiB
	shutdownGracePeriod = 10 * time.Second
	readTimeout         = 30 * time.Second
	idleTimeout         = 120 * time.Second
)

type Server struct {
	cfg        config.Config
	engine     *gateway.Gateway
	registry   *registry.Registry
	embeddings *embeddings.Service
	app        *echo.Echo
	address    string
}

// New constructs an HTTP server wired with routing and middleware.
func New(cfg config.Config, engine *gateway.Gateway, reg *registry.Registry, emb *embeddings.Service) (*Server, error) {
	if engine == nil {
		return nil, errors.New("engine must not be nil")
	}
	if reg == nil {
		return nil, errors.New("registry must not be nil")
	}

	e := echo.New()
	e.HideBanner = true
	e.HidePort = true
	e.HTTPErrorHandler = openAIErrorHandler

	e.Pre(middleware.RemoveTrailingSlash())
	e.Use(middleware.Recover())
	e.Use(middleware.RequestLoggerWithConfig(middleware.RequestLoggerConfig{
		LogLatency: true,
		LogMethod:  true,
		LogURI:     true,
		LogStatus:  true,
		LogValuesFunc: func(c echo.Context, v middleware.RequestLoggerValues) error {
			slog.Info("request",
				"method", v.Method,
				"uri", v.URI,
				"status", v.Status,
				"latency_ms", v.Latency.Milliseconds(),
				"error", v.Error,
			)
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
		cfg:        cfg,
		engine:     engine,
		registry:   reg,
		embeddings: emb,
		app:        e,
		address:    fmt.Sprintf(":%d", cfg.Server.Port),
	}

	srv.registerRoutes()

	return srv, nil
}

// Run starts the HTTP server and blocks until the context is cancelled.
func (s *Server) Run(ctx context.Context) error {
	printStartupBanner(s.cfg.Server.Port)
	slog.Info("starting server", "addr", s.address)

	// No write timeout: streamed completions hold the response open for
	// as long as the backend produces events.
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
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownGracePeriod)
		defer cancel()
		if err := s.app.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("graceful shutdown failed: %w", err)
		}
		slog.Info("server shutdown complete")
		return nil
	case err := <-errCh:
		return err
	}
}

func (s *Server) registerRoutes() {
	s.app.GET("/health", s.handleHealth)
	s.app.GET("/v1/models", s.handleModels)
	s.app.POST("/v1/chat/completions", s.handleChatCompletions)
	s.app.POST("/v1/embeddings", s.handleEmbeddings)
}

func (s *Server) handleHealth(c echo.Context) error {
	return c.JSON(http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleModels(c echo.Context) error {
	ids := s.registry.List()
	list := schema.ModelList{Object: "list", Data: make([]schema.Model, 0, len(ids))}
	for _, id := range ids {
		list.Data = append(list.Data, schema.Model{
			ID:      id,
			Object:  "model",
			OwnedBy: "organization",
		})
	}
	return c.JSON(http.StatusOK, list)
}

func (s *Server) handleChatCompletions(c echo.Context) error {
	var req schema.ChatRequest
	if err := decodeRequestBody(c, &req); err != nil {
		return err
	}

	ctx := c.Request().Context()
	if req.Stream {
		chunks, errs, err := s.engine.ChatStream(ctx, req)
		if err != nil {
			return toHTTPError(err)
		}
		return writeChatStream(c, chunks, errs)
	}

	resp, references, err := s.engine.Chat(ctx, req)
	if err != nil {
		return toHTTPError(err)
	}
	appendReferences(resp, references)
	return c.JSON(http.StatusOK, resp)
}

func (s *Server) handleEmbeddings(c echo.Context) error {
	if s.embeddings == nil {
		return requestError{
			Status:  http.StatusNotImplemented,
			Message: "no embedding models are configured",
			Type:    "invalid_request_error",
		}
	}

	var req schema.EmbeddingsRequest
	if err := decodeRequestBody(c, &req); err != nil {
		return err
	}

	resp, err := s.embeddings.Embed(c.Request().Context(), req)
	if err != nil {
		return toHTTPError(err)
	}
	return c.JSON(http.StatusOK, resp)
}

// appendReferences attaches retrieval citations to the final assistant
// message of a complete response.
func appendReferences(resp *schema.ChatResponse, references []retrieve.Reference) {
	if len(references) == 0 || len(resp.Choices) == 0 {
		return
	}
	message := &resp.Choices[0].Message
	if message.Content == nil {
		return
	}
	combined := *message.Content + retrieve.FormatReferences(references)
	message.Content = &combined
}

func writeChatStream(c echo.Context, chunks <-chan *schema.ChatStreamResponse, errs <-chan error) error {
	writer := c.Response().Writer
	flusher, ok := writer.(http.Flusher)
	if !ok {
		slog.Error("http writer does not support flushing")
		return requestError{
			Status:  http.StatusInternalServerError,
			Message: "server does not support streaming responses",
			Type:    "server_error",
		}
	}

	header := c.Response().Header()
	header.Set("Content-Type", "text/event-stream")
	header.Set("Cache-Control", "no-cache")
	header.Set("Connection", "keep-alive")

	c.Response().WriteHeader(http.StatusOK)

	for chunk := range chunks {
		if chunk == nil {
			if err := writeSSEData(writer, []byte("[DONE]")); err != nil {
				return err
			}
			flusher.Flush()
			continue
		}
		data, err := json.Marshal(chunk)
		if err != nil {
			slog.Error("failed to encode stream chunk", "err", err)
			return err
		}
		if err := writeSSEData(writer, data); err != nil {
			return err
		}
		flusher.Flush()
	}

	if err := <-errs; err != nil {
		// Headers are already out; all that is left is to log and cut
		// the stream short.
		slog.Error("stream aborted", "err", err)
	}
	return nil
}

func writeSSEData(w io.Writer, data []byte) error {
	if _, err := fmt.Fprintf(w, "data: %s\n\n", data); err != nil {
		return fmt.Errorf("write SSE data: %w", err)
	}
	return nil
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
			Message: fmt.Sprintf("invalid request payload: %v", err),
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

func openAIErrorHandler(err error, c echo.Context) {
	var reqErr requestError
	if errors.As(err, &reqErr) {
		_ = writeError(c, reqErr.Status, reqErr.Message, reqErr.Type, reqErr.Code)
		return
	}

	type httpError interface {
		Code() int
		Error() string
	}

	if he, ok := err.(httpError); ok {
		_ = writeError(c, he.Code(), he.Error(), "invalid_request_error", "")
		return
	}

	_ = writeError(c, http.StatusInternalServerError, "internal server error", "server_error", "")
}

func toHTTPError(err error) error {
	var reqErr requestError
	if errors.As(err, &reqErr) {
		return reqErr
	}

	if errors.Is(err, registry.ErrUnsupportedModel) {
		return requestError{
			Status:  http.StatusBadRequest,
			Message: err.Error(),
			Type:    "invalid_request_error",
			Code:    "model_not_found",
		}
	}

	switch {
	case errors.Is(err, registry.ErrUnsupportedModality),
		errors.Is(err, converse.ErrInvalidRequest),
		errors.Is(err, translate.ErrResourceFetch),
		errors.Is(err, gateway.ErrTooManyLegs),
		errors.Is(err, schema.ErrUnknownRole),
		errors.Is(err, schema.ErrInvalidContent):
		return requestError{
			Status:  http.StatusBadRequest,
			Message: err.Error(),
			Type:    "invalid_request_error",
		}
	}

	slog.Error("upstream call failed", "err", err)
	return requestError{
		Status:  http.StatusBadGateway,
		Message: err.Error(),
		Type:    "upstream_error",
	}
}

func printStartupBanner(port int) {
	host := "127.0.0.1"
	fmt.Println()
	fmt.Println("converse-gateway ready")
	fmt.Printf("Listening on http://%s:%d\n", host, port)
	fmt.Println("Endpoints:")
	fmt.Println("  GET  /health")
	fmt.Println("  GET  /v1/models")
	fmt.Println("  POST /v1/chat/completions")
	fmt.Println("  POST /v1/embeddings")
	fmt.Printf("Example:\n  curl http://%s:%d/v1/chat/completions -H 'Content-Type: application/json' -d '{\"model\":\"claude-3-sonnet\",\"messages\":[{\"role\":\"user\",\"content\":\"hello\"}]}'\n\n", host, port)
}

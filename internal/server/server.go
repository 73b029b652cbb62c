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

	"sgproxy/internal/config"
	"sgproxy/internal/metrics"
	"sgproxy/internal/provider"
	"sgproxy/internal/router"
	"sgproxy/internal/translator"
)

const (
	maxBodyBytes        = 1 << 20 // 1 MiB
	shutdownGracePeriod = 10 * time.Second
	readTimeout         = 30 * time.Second
	idleTimeout         = 120 * time.Second
)

type Server struct {
	cfg     config.Config
	router  *router.Router
	metrics *metrics.Metrics
	app     *echo.Echo
	address string
}

// New constructs an HTTP server wired with routing and middleware.
func New(cfg config.Config, rt *router.Router, m *metrics.Metrics) (*Server, error) {
	if rt == nil {
		return nil, errors.New("router must not be nil")
	}
	if m == nil {
		return nil, errors.New("metrics must not be nil")
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
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
		cfg:     cfg,
		router:  rt,
		metrics: m,
		app:     e,
		address: fmt.Sprintf(":%d", cfg.Server.Port),
	}

	srv.registerRoutes()

	return srv, nil
}

// Handler exposes the routed echo instance.
func (s *Server) Handler() http.Handler {
	return s.app
}

// Run starts the HTTP server and blocks until the context is cancelled.
func (s *Server) Run(ctx context.Context) error {
	printStartupBanner(s.cfg.Server.Port, s.cfg.Upstream.BaseURL())
	slog.Info("starting server", "addr", s.address, "upstream", s.cfg.Upstream.BaseURL())

	// No WriteTimeout: completion streams stay open for as long as the
	// upstream keeps producing.
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
	s.app.GET("/metrics", echo.WrapHandler(s.metrics.Handler()))
	s.app.POST("/v1/chat/completions", s.handleChatCompletions)
	s.app.GET("/v1/models", s.handleModels)
}

func (s *Server) handleHealth(c echo.Context) error {
	return c.JSON(http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleChatCompletions(c echo.Context) error {
	creds := provider.CredentialsFromAuthorization(c.Request().Header.Get(echo.HeaderAuthorization))

	var req translator.ChatCompletionRequest
	if err := decodeRequestBody(c, &req); err != nil {
		return err
	}

	slog.Debug("chat completion request",
		"model", req.Model,
		"messages", len(req.Messages),
		"stream", req.Stream,
		"has_credentials", creds.SessionToken != "",
	)

	// Only streaming responses exist; stream=false is served the same way.
	ctx, cancel := context.WithCancel(c.Request().Context())
	defer cancel()

	frames := s.router.Chat(ctx, req.ToModel(), creds)
	return s.writeStream(c, cancel, frames)
}

func (s *Server) handleModels(c echo.Context) error {
	creds := provider.CredentialsFromAuthorization(c.Request().Header.Get(echo.HeaderAuthorization))

	list, err := s.router.Models(c.Request().Context(), creds)
	if err != nil {
		return catalogError(c, err)
	}
	return c.JSON(http.StatusOK, list)
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
		var maxErr *http.MaxBytesError
		if errors.As(err, &maxErr) {
			return requestError{
				Status:  http.StatusRequestEntityTooLarge,
				Message: fmt.Sprintf("request body exceeds %d bytes", maxErr.Limit),
				Type:    "invalid_request_error",
			}
		}
		if errors.Is(err, translator.ErrMalformedRequest) {
			return requestError{
				Status:  http.StatusBadRequest,
				Message: err.Error(),
				Type:    "invalid_request_error",
				Code:    "missing_required_parameter",
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

func openAIErrorHandler(err error, c echo.Context) {
	if c.Response().Committed {
		slog.Error("error after response was committed", "err", err)
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

type catalogErrorBody struct {
	Error   string `json:"error"`
	Message string `json:"message"`
}

// catalogError renders model listing failures as {"error","message"}.
func catalogError(c echo.Context, err error) error {
	var (
		fetchErr  *provider.CatalogFetchError
		decodeErr *translator.CatalogDecodeError
	)
	switch {
	case errors.As(err, &fetchErr):
		slog.Error("model catalog fetch failed", "url", fetchErr.URL, "status", fetchErr.Status, "body", fetchErr.Body)
		return c.JSON(fetchErr.Status, catalogErrorBody{
			Error:   fetchErr.Error(),
			Message: fetchErr.Body,
		})
	case errors.As(err, &decodeErr):
		slog.Error("model catalog decode failed", "url", decodeErr.URL, "err", decodeErr.Err)
		return c.JSON(http.StatusInternalServerError, catalogErrorBody{
			Error:   fmt.Sprintf("Failed to decode JSON response from %s", decodeErr.URL),
			Message: decodeErr.Err.Error(),
		})
	default:
		slog.Error("model catalog request failed", "err", err)
		return c.JSON(http.StatusBadGateway, catalogErrorBody{
			Error:   "Failed to reach upstream model catalog",
			Message: err.Error(),
		})
	}
}

func printStartupBanner(port int, upstream string) {
	host := "127.0.0.1"
	fmt.Println()
	fmt.Println("sgproxy ready")
	fmt.Printf("Listening on http://%s:%d\n", host, port)
	fmt.Printf("Upstream: %s\n", upstream)
	fmt.Println("Endpoints:")
	fmt.Println("  GET  /health")
	fmt.Println("  GET  /metrics")
	fmt.Println("  GET  /v1/models")
	fmt.Println("  POST /v1/chat/completions")
	fmt.Println("Pass your Sourcegraph session token as the OpenAI API key.")
	fmt.Printf("Example:\n  curl -N http://%s:%d/v1/chat/completions -H 'Authorization: Bearer <token>' -H 'Content-Type: application/json' -d '{\"model\":\"anthropic::2024-10-22::claude-3-5-sonnet-latest\",\"messages\":[{\"role\":\"user\",\"content\":\"hello\"}]}'\n\n", host, port)
}

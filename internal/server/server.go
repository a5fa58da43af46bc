package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"ollama-openai-adapter/internal/auth"
	"ollama-openai-adapter/internal/config"
	"ollama-openai-adapter/internal/metrics"
	"ollama-openai-adapter/internal/router"
	"ollama-openai-adapter/internal/translator"
)

// Version is reported by /health and /.
const Version = "1.0.0"

const (
	maxBodyBytes        = 1 << 20 // 1 MiB
	shutdownGracePeriod = 10 * time.Second
	readTimeout         = 30 * time.Second
	idleTimeout         = 120 * time.Second
	maxBackoffWait      = 10 * time.Second
	writeTimeoutSlack   = 15 * time.Second
)

type Server struct {
	cfg     config.Config
	router  *router.Router
	log     *zap.Logger
	app     *echo.Echo
	address string
}

// New constructs an HTTP server wired with routing and middleware.
func New(cfg config.Config, rt *router.Router, log *zap.Logger) (*Server, error) {
	if rt == nil {
		return nil, errors.New("router must not be nil")
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	if log == nil {
		log = zap.NewNop()
	}

	srv := &Server{
		cfg:     cfg,
		router:  rt,
		log:     log.Named("server"),
		address: fmt.Sprintf(":%d", cfg.Server.Port),
	}

	e := echo.New()
	e.HideBanner = true
	e.HidePort = true
	e.HTTPErrorHandler = srv.errorHandler

	e.Pre(middleware.RemoveTrailingSlash())
	e.Use(middleware.RequestIDWithConfig(middleware.RequestIDConfig{
		Generator: uuid.NewString,
	}))
	e.Use(middleware.Recover())
	e.Use(middleware.RequestLoggerWithConfig(middleware.RequestLoggerConfig{
		LogLatency:   true,
		LogMethod:    true,
		LogURI:       true,
		LogStatus:    true,
		LogRequestID: true,
		LogError:     true,
		LogValuesFunc: func(c echo.Context, v middleware.RequestLoggerValues) error {
			fields := []zap.Field{
				zap.String("request_id", v.RequestID),
				zap.String("method", v.Method),
				zap.String("uri", v.URI),
				zap.Int("status", v.Status),
				zap.Int64("latency_ms", v.Latency.Milliseconds()),
			}
			if v.Error != nil {
				fields = append(fields, zap.Error(v.Error))
			}
			srv.log.Info("request", fields...)
			return nil
		},
	}))
	e.Use(middleware.CORSWithConfig(middleware.CORSConfig{
		AllowOrigins:     cfg.Server.CORSAllowOrigins,
		AllowCredentials: true,
		// Mirrors the request origin when "*" is configured together with credentials.
		UnsafeWildcardOriginWithAllowCredentials: true,
	}))
	e.Use(middleware.SecureWithConfig(middleware.SecureConfig{
		XSSProtection:         "1; mode=block",
		ContentTypeNosniff:    "nosniff",
		XFrameOptions:         "DENY",
		ContentSecurityPolicy: "default-src 'none'; frame-ancestors 'none'; form-action 'none'",
	}))
	e.Use(metrics.Middleware())

	srv.app = e
	srv.registerRoutes()

	return srv, nil
}

// Handler exposes the configured echo instance.
func (s *Server) Handler() http.Handler {
	return s.app
}

// Run starts the HTTP server and blocks until the context is cancelled.
func (s *Server) Run(ctx context.Context) error {
	printStartupBanner(s.cfg)
	s.log.Info("starting server",
		zap.String("addr", s.address),
		zap.String("ollama_host", s.cfg.Ollama.Host),
		zap.String("default_model", s.cfg.Ollama.DefaultModel),
		zap.Bool("auth_enabled", s.cfg.Auth.Enabled),
	)

	httpServer := &http.Server{
		Addr:         s.address,
		Handler:      s.app,
		ReadTimeout:  readTimeout,
		WriteTimeout: writeTimeout(s.cfg),
		IdleTimeout:  idleTimeout,
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
		s.log.Info("server shutdown complete")
		return nil
	case err := <-errCh:
		return err
	}
}

// writeTimeout leaves room for every retry attempt plus the waits between them.
func writeTimeout(cfg config.Config) time.Duration {
	attempts := time.Duration(cfg.Ollama.MaxAttempts)
	return cfg.Ollama.Timeout*attempts + maxBackoffWait*(attempts-1) + writeTimeoutSlack
}

func (s *Server) registerRoutes() {
	s.app.GET("/", s.handleRoot)
	s.app.GET("/health", s.handleHealth)
	s.app.GET("/metrics", echo.WrapHandler(promhttp.Handler()))

	v1 := s.app.Group("/v1", s.requireAuth)
	v1.POST("/chat/completions", s.handleChatCompletions)
	v1.GET("/models", s.handleListModels)
}

// requireAuth rejects unauthorised requests before their body is read.
func (s *Server) requireAuth(next echo.HandlerFunc) echo.HandlerFunc {
	return func(c echo.Context) error {
		if err := s.router.Authorize(c.Request().Header.Get(echo.HeaderAuthorization)); err != nil {
			return err
		}
		return next(c)
	}
}

func (s *Server) handleRoot(c echo.Context) error {
	return c.JSON(http.StatusOK, map[string]any{
		"name":        "Ollama OpenAI-Compatible API",
		"version":     Version,
		"description": "OpenAI-compatible API for Ollama LLMs",
		"endpoints": map[string]string{
			"chat_completions": "/v1/chat/completions",
			"models":           "/v1/models",
			"health":           "/health",
		},
	})
}

func (s *Server) handleHealth(c echo.Context) error {
	return c.JSON(http.StatusOK, map[string]string{"status": "ok", "version": Version})
}

func (s *Server) handleChatCompletions(c echo.Context) error {
	var req translator.ChatCompletionRequest
	if err := decodeRequestBody(c, &req); err != nil {
		return err
	}

	resp, err := s.router.ChatCompletions(c.Request().Context(), req, c.Request().Header.Get(echo.HeaderAuthorization))
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, resp)
}

func (s *Server) handleListModels(c echo.Context) error {
	list, err := s.router.ListModels(c.Request().Context(), c.Request().Header.Get(echo.HeaderAuthorization))
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, list)
}

func decodeRequestBody[T any](c echo.Context, target *T) error {
	req := c.Request()
	defer req.Body.Close()

	req.Body = http.MaxBytesReader(c.Response(), req.Body, maxBodyBytes)

	decoder := json.NewDecoder(req.Body)
	if err := decoder.Decode(target); err != nil {
		var tooLarge *http.MaxBytesError
		switch {
		case errors.As(err, &tooLarge):
			return requestError{Status: http.StatusRequestEntityTooLarge, Detail: "request body too large"}
		case errors.Is(err, io.EOF):
			return requestError{Status: http.StatusUnprocessableEntity, Detail: "request body is required"}
		default:
			return requestError{Status: http.StatusUnprocessableEntity, Detail: fmt.Sprintf("invalid request body: %v", err)}
		}
	}

	if err := decoder.Decode(&struct{}{}); err != io.EOF {
		return requestError{
			Status: http.StatusUnprocessableEntity,
			Detail: "request body must contain a single JSON object",
		}
	}
	return nil
}

type requestError struct {
	Status int
	Detail string
}

func (e requestError) Error() string {
	return e.Detail
}

type errorBody struct {
	Detail string `json:"detail"`
}

func (s *Server) errorHandler(err error, c echo.Context) {
	if c.Response().Committed {
		return
	}

	status, detail := toHTTPError(err)
	if status >= http.StatusInternalServerError {
		s.log.Error("request failed", zap.Int("status", status), zap.Error(err))
	}

	if c.Request().Method == http.MethodHead {
		_ = c.NoContent(status)
		return
	}
	_ = c.JSON(status, errorBody{Detail: detail})
}

func toHTTPError(err error) (int, string) {
	var reqErr requestError
	if errors.As(err, &reqErr) {
		return reqErr.Status, reqErr.Detail
	}

	var unauth *auth.UnauthorizedError
	if errors.As(err, &unauth) {
		return http.StatusUnauthorized, unauth.Reason
	}

	var internal *router.InternalError
	if errors.As(err, &internal) {
		return http.StatusInternalServerError, internal.Error()
	}

	var he *echo.HTTPError
	if errors.As(err, &he) {
		return he.Code, fmt.Sprint(he.Message)
	}

	return http.StatusInternalServerError, "Internal server error"
}

func printStartupBanner(cfg config.Config) {
	host := "127.0.0.1"
	port := cfg.Server.Port
	fmt.Println()
	fmt.Println("ollama-openai-adapter ready")
	fmt.Printf("Listening on http://%s:%d (backend %s)\n", host, port, cfg.Ollama.Host)
	fmt.Println("Endpoints:")
	fmt.Println("  GET  /")
	fmt.Println("  GET  /health")
	fmt.Println("  GET  /metrics")
	fmt.Println("  GET  /v1/models")
	fmt.Println("  POST /v1/chat/completions")
	authHeader := ""
	if cfg.Auth.Enabled {
		authHeader = " -H 'Authorization: Bearer $API_KEY'"
	}
	fmt.Printf("Example:\n  curl http://%s:%d/v1/chat/completions%s -H 'Content-Type: application/json' -d '{\"model\":\"%s\",\"messages\":[{\"role\":\"user\",\"content\":\"hello\"}]}'\n\n",
		host, port, authHeader, cfg.Ollama.DefaultModel)
}

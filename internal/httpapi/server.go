package httpapi

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"

	"promptcaller/internal/caller"
	"promptcaller/internal/crypto"
	"promptcaller/internal/metrics"
	"promptcaller/internal/prompt"
	"promptcaller/internal/queue"
	"promptcaller/internal/storage"
)

const (
	maxBodyBytes        = "1M"
	shutdownGracePeriod = 10 * time.Second
)

type PromptCaller interface {
	Call(ctx context.Context, p prompt.Prompt, maxTokens int) (caller.Result, error)
}

type Enqueuer interface {
	Enqueue(ctx context.Context, job queue.CallJob) (string, error)
}

type Config struct {
	ListenAddr  string
	HealthPath  string
	MetricsPath string
	ReadTimeout time.Duration
	MaxTokens   int

	Caller      PromptCaller
	Queue       Enqueuer
	RateLimiter *queue.RateLimiter
	Store       *storage.Store
	Sealer      *crypto.Sealer
	Logger      zerolog.Logger
	Metrics     *metrics.Metrics

	// Webhook, when set, is mounted at WebhookPath for Telegram updates.
	Webhook     http.Handler
	WebhookPath string
}

type Server struct {
	cfg     Config
	app     *echo.Echo
	logger  zerolog.Logger
	metrics *metrics.Metrics
}

func New(cfg Config) (*Server, error) {
	if cfg.Caller == nil {
		return nil, errors.New("caller must not be nil")
	}
	if cfg.HealthPath == "" {
		cfg.HealthPath = "/healthz"
	}
	if cfg.MetricsPath == "" {
		cfg.MetricsPath = "/metrics"
	}
	if cfg.ReadTimeout <= 0 {
		cfg.ReadTimeout = 15 * time.Second
	}
	m := cfg.Metrics
	if m == nil {
		m = metrics.Global()
	}

	e := echo.New()
	e.HideBanner = true
	e.HidePort = true
	e.HTTPErrorHandler = jsonErrorHandler

	e.Pre(middleware.RemoveTrailingSlash())
	e.Use(middleware.Recover())
	e.Use(middleware.BodyLimit(maxBodyBytes))
	e.Use(middleware.RequestLoggerWithConfig(middleware.RequestLoggerConfig{
		LogLatency: true,
		LogMethod:  true,
		LogURI:     true,
		LogStatus:  true,
		LogError:   true,
		LogValuesFunc: func(c echo.Context, v middleware.RequestLoggerValues) error {
			ev := cfg.Logger.Info()
			if v.Error != nil {
				ev = cfg.Logger.Warn().Err(v.Error)
			}
			ev.Str("method", v.Method).
				Str("uri", v.URI).
				Int("status", v.Status).
				Int64("latency_ms", v.Latency.Milliseconds()).
				Msg("request")
			return nil
		},
	}))

	s := &Server{cfg: cfg, app: e, logger: cfg.Logger, metrics: m}
	s.registerRoutes()
	return s, nil
}

func (s *Server) registerRoutes() {
	s.app.GET(s.cfg.HealthPath, s.health)
	s.app.GET(s.cfg.MetricsPath, echo.WrapHandler(promhttp.Handler()))
	if s.cfg.Webhook != nil && s.cfg.WebhookPath != "" {
		s.app.POST(s.cfg.WebhookPath, echo.WrapHandler(s.cfg.Webhook))
	}

	v1 := s.app.Group("/v1")
	v1.POST("/calls", s.createCall)
	v1.GET("/calls", s.listCalls)
	v1.POST("/jobs", s.createJob)
	v1.GET("/jobs/:id", s.getJob)
	v1.GET("/usage", s.usage)
}

func (s *Server) Handler() http.Handler {
	return s.app
}

// Run serves until ctx is cancelled, then shuts down gracefully.
func (s *Server) Run(ctx context.Context) error {
	httpServer := &http.Server{
		Addr:              s.cfg.ListenAddr,
		Handler:           s.app,
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       s.cfg.ReadTimeout,
	}

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info().Str("addr", s.cfg.ListenAddr).Msg("http server started")
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
		return nil
	case err := <-errCh:
		return fmt.Errorf("http server: %w", err)
	}
}

func jsonErrorHandler(err error, c echo.Context) {
	if c.Response().Committed {
		return
	}
	code := http.StatusInternalServerError
	msg := http.StatusText(code)
	var he *echo.HTTPError
	if errors.As(err, &he) {
		code = he.Code
		msg = fmt.Sprint(he.Message)
	}
	if c.Request().Method == http.MethodHead {
		_ = c.NoContent(code)
		return
	}
	_ = c.JSON(code, errorResponse{Error: msg})
}

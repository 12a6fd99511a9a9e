package telegram

import (
	"context"
	"time"

	"github.com/PaulSonOfLars/gotgbot/v2/ext"
	"github.com/PaulSonOfLars/gotgbot/v2/ext/handlers"
	"github.com/rs/zerolog"

	"promptcaller/internal/metrics"
	"promptcaller/internal/queue"
	"promptcaller/internal/storage"
)

type Enqueuer interface {
	Enqueue(ctx context.Context, job queue.CallJob) (string, error)
}

type Service struct {
	store         *storage.Store
	queue         Enqueuer
	rateLimiter   *queue.RateLimiter
	logger        zerolog.Logger
	metrics       *metrics.Metrics
	defaultSystem string
	maxTokens     int
}

type Config struct {
	Store         *storage.Store
	Queue         Enqueuer
	RateLimiter   *queue.RateLimiter
	Logger        zerolog.Logger
	Metrics       *metrics.Metrics
	DefaultSystem string
	MaxTokens     int
}

func NewService(cfg Config) *Service {
	m := cfg.Metrics
	if m == nil {
		m = metrics.Global()
	}
	return &Service{
		store:         cfg.Store,
		queue:         cfg.Queue,
		rateLimiter:   cfg.RateLimiter,
		logger:        cfg.Logger,
		metrics:       m,
		defaultSystem: cfg.DefaultSystem,
		maxTokens:     cfg.MaxTokens,
	}
}

func (s *Service) Register(d *ext.Dispatcher) {
	d.AddHandler(handlers.NewCommand("help", s.help))
	d.AddHandler(handlers.NewCommand("start", s.help))
	d.AddHandler(handlers.NewCommand("ask", s.ask))
	d.AddHandler(handlers.NewCommand("usage", s.usage))
}

func (s *Service) now() time.Time {
	return time.Now().UTC()
}

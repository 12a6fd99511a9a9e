package main

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/PaulSonOfLars/gotgbot/v2"
	"github.com/PaulSonOfLars/gotgbot/v2/ext"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"

	"promptcaller/internal/caller"
	"promptcaller/internal/config"
	"promptcaller/internal/crypto"
	"promptcaller/internal/httpapi"
	"promptcaller/internal/metrics"
	"promptcaller/internal/queue"
	"promptcaller/internal/storage"
	"promptcaller/internal/telegram"
	"promptcaller/internal/worker"
)

func runServices(ctx context.Context, cfg *config.Config, pc *caller.Caller) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	store, err := storage.Open(ctx, cfg.DB.Driver, cfg.DB.DSN, cfg.DB.AutoMigrate)
	if err != nil {
		return fmt.Errorf("initialize storage: %w", err)
	}
	defer store.Close()

	rdb := redis.NewClient(&redis.Options{
		Addr:     cfg.Redis.Addr,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	})
	if err := rdb.Ping(ctx).Err(); err != nil {
		return fmt.Errorf("connect redis: %w", err)
	}
	defer rdb.Close()

	var sealer *crypto.Sealer
	if len(cfg.Crypto.Keys) > 0 {
		sealer, err = crypto.NewSealer(cfg.Crypto.CurrentKeyID, cfg.Crypto.Keys)
		if err != nil {
			return fmt.Errorf("initialize sealer: %w", err)
		}
	}

	m := metrics.Global()
	jobQueue := queue.NewStreamQueue(rdb, cfg.Redis.QueueStream, cfg.Redis.QueueGroup, cfg.Worker.ConsumerName, cfg.Redis.QueueBlock)
	limiter := queue.NewRateLimiter(rdb, cfg.Rate.PerHour)
	runAPI := cfg.AppMode == config.ModeAPI || cfg.AppMode == config.ModeAll
	runWorker := cfg.AppMode == config.ModeWorker || cfg.AppMode == config.ModeAll

	var bot *gotgbot.Bot
	if cfg.Telegram.BotToken != "" {
		bot, err = gotgbot.NewBot(cfg.Telegram.BotToken, nil)
		if err != nil {
			return fmt.Errorf("create telegram bot: %w", err)
		}
		log.Info().Str("bot_username", bot.User.Username).Int64("bot_id", bot.User.Id).Msg("telegram bot initialized")
	}

	errCh := make(chan error, 2)
	var wg sync.WaitGroup

	var updater *ext.Updater
	apiCfg := httpapi.Config{
		ListenAddr:  cfg.HTTP.ListenAddr,
		HealthPath:  cfg.HTTP.HealthPath,
		MetricsPath: cfg.HTTP.MetricsPath,
		ReadTimeout: cfg.HTTP.ReadTimeout,
		MaxTokens:   cfg.LLM.MaxTokens,
		Caller:      pc,
		Queue:       jobQueue,
		RateLimiter: limiter,
		Store:       store,
		Sealer:      sealer,
		Logger:      log.Logger,
		Metrics:     m,
	}

	if bot != nil && runAPI {
		updater, err = startTelegram(cfg, bot, rdb, store, jobQueue, limiter, m, &apiCfg)
		if err != nil {
			return err
		}
	}

	if runAPI {
		server, err := httpapi.New(apiCfg)
		if err != nil {
			return fmt.Errorf("create http api: %w", err)
		}
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := server.Run(ctx); err != nil {
				errCh <- err
			}
		}()
	}

	if runWorker {
		wcfg := worker.Config{
			Caller:        pc,
			Store:         store,
			Queue:         jobQueue,
			Sealer:        sealer,
			MaxTokens:     cfg.LLM.MaxTokens,
			MaxJobRetries: cfg.Worker.MaxRetries,
			Logger:        log.Logger,
			Metrics:       m,
		}
		if bot != nil {
			wcfg.Notifier = telegram.NewNotifier(bot)
			wcfg.MaxAnswerRunes = telegram.MaxMessageRunes
		}
		w := worker.New(wcfg)
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := w.Start(ctx, cfg.Worker.Concurrency); err != nil && ctx.Err() == nil {
				errCh <- fmt.Errorf("worker failed: %w", err)
			}
		}()
		log.Info().Int("concurrency", cfg.Worker.Concurrency).Msg("worker started")
	}

	var runErr error
	select {
	case <-ctx.Done():
		log.Info().Msg("shutdown signal received")
	case runErr = <-errCh:
	}
	cancel()

	if updater != nil {
		if err := updater.Stop(); err != nil {
			log.Error().Err(err).Msg("failed to stop updater")
		}
	}
	wg.Wait()
	return runErr
}

// startTelegram registers the bot front-end. In webhook mode the update
// handler is mounted on the API server through apiCfg.
func startTelegram(
	cfg *config.Config,
	bot *gotgbot.Bot,
	rdb *redis.Client,
	store *storage.Store,
	jobQueue *queue.StreamQueue,
	limiter *queue.RateLimiter,
	m *metrics.Metrics,
	apiCfg *httpapi.Config,
) (*ext.Updater, error) {
	logTelegramErr := func(err error) {
		log.Error().Str("component", "telegram").Msg(sanitizeTelegramErr(err, cfg.Telegram.BotToken))
	}
	dispatcher := ext.NewDispatcher(&ext.DispatcherOpts{
		MaxRoutines:      100,
		UnhandledErrFunc: logTelegramErr,
		Processor: telegram.Processor{
			Dedupe:  queue.NewUpdateDeduplicator(rdb, cfg.Redis.UpdateTTL),
			Metrics: m,
			Logger:  log.Logger,
		},
	})
	telegram.NewService(telegram.Config{
		Store:         store,
		Queue:         jobQueue,
		RateLimiter:   limiter,
		Logger:        log.Logger,
		Metrics:       m,
		DefaultSystem: cfg.LLM.DefaultSystem,
		MaxTokens:     cfg.LLM.MaxTokens,
	}).Register(dispatcher)
	updater := ext.NewUpdater(dispatcher, &ext.UpdaterOpts{
		UnhandledErrFunc: logTelegramErr,
	})

	if cfg.Telegram.DevPolling {
		if err := updater.StartPolling(bot, &ext.PollingOpts{
			EnableWebhookDeletion: true,
			DropPendingUpdates:    true,
			GetUpdatesOpts: &gotgbot.GetUpdatesOpts{
				Timeout: 50,
				RequestOpts: &gotgbot.RequestOpts{
					Timeout: 60 * time.Second,
				},
			},
		}); err != nil {
			return nil, fmt.Errorf("start polling: %w", err)
		}
		log.Info().Msg("telegram polling started")
		return updater, nil
	}

	if cfg.Telegram.WebhookURL == "" {
		return nil, fmt.Errorf("WEBHOOK_URL is required when BOT_TOKEN is set without DEV_POLLING")
	}
	path := cfg.Telegram.SecretPath
	if path == "" {
		path = "telegram"
	}
	if err := updater.AddWebhook(bot, path, &ext.AddWebhookOpts{SecretToken: cfg.Telegram.SecretToken}); err != nil {
		return nil, fmt.Errorf("configure webhook handler: %w", err)
	}
	webhookURL := strings.TrimSuffix(cfg.Telegram.WebhookURL, "/") + "/" + path
	if _, err := bot.SetWebhook(webhookURL, &gotgbot.SetWebhookOpts{
		SecretToken: cfg.Telegram.SecretToken,
	}); err != nil {
		return nil, fmt.Errorf("set telegram webhook: %w", err)
	}
	log.Info().Str("webhook_url", webhookURL).Msg("webhook registered")
	apiCfg.Webhook = updater.GetHandlerFunc("/")
	apiCfg.WebhookPath = "/" + path
	return updater, nil
}

func sanitizeTelegramErr(err error, token string) string {
	if err == nil {
		return ""
	}
	msg := err.Error()
	if strings.TrimSpace(token) == "" {
		return msg
	}

	msg = strings.ReplaceAll(msg, token, "<redacted-token>")
	if idx := strings.Index(token, ":"); idx > 0 {
		botID := token[:idx]
		msg = strings.ReplaceAll(msg, "/bot"+botID+":", "/bot<redacted>:")
	}
	return msg
}

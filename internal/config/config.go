package config

import (
	"encoding/base64"
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

const (
	ModeCLI    = "CLI"
	ModeAPI    = "API"
	ModeWorker = "WORKER"
	ModeAll    = "ALL"

	BackendAuto       = "auto"
	BackendHosted     = "hosted"
	BackendSelfHosted = "self_hosted"
)

var (
	ErrMissingModel       = errors.New("MODEL is required")
	ErrInvalidBackend     = errors.New("BACKEND must be 'auto', 'hosted' or 'self_hosted'")
	ErrMissingAPIBase     = errors.New("API_BASE is required for a self_hosted backend")
	ErrMissingDatabaseDSN = errors.New("DB_DSN is required")
	ErrInvalidMaxTokens   = errors.New("MAX_TOKENS must be > 0")
)

type Config struct {
	AppMode string

	LLM      LLMConfig
	HTTP     HTTPConfig
	Redis    RedisConfig
	DB       DBConfig
	Worker   WorkerConfig
	Rate     RateConfig
	Telegram TelegramConfig
	Crypto   CryptoConfig
	Log      LogConfig
}

type LLMConfig struct {
	Model         string
	Backend       string
	APIBase       string
	APIKey        string
	MaxTokens     int
	ChunkDelay    time.Duration
	StrictUsage   bool
	EchoStream    bool
	DefaultSystem string
	ClientTimeout time.Duration
}

type HTTPConfig struct {
	ListenAddr  string
	HealthPath  string
	MetricsPath string
	ReadTimeout time.Duration
}

type RedisConfig struct {
	Addr        string
	Password    string
	DB          int
	QueueStream string
	QueueGroup  string
	QueueBlock  time.Duration
	UpdateTTL   time.Duration
}

type DBConfig struct {
	Driver      string
	DSN         string
	AutoMigrate bool
}

type WorkerConfig struct {
	Concurrency  int
	ConsumerName string
	MaxRetries   int
}

type RateConfig struct {
	PerHour int64
}

type TelegramConfig struct {
	BotToken    string
	DevPolling  bool
	WebhookURL  string
	SecretPath  string
	SecretToken string
}

// CryptoConfig holds the transcript sealing keys. Empty Keys disables sealing.
type CryptoConfig struct {
	CurrentKeyID string
	Keys         map[string][]byte
}

type LogConfig struct {
	Level string
}

// LoadDotEnv loads variables from path without overriding the environment.
// A missing file is not an error.
func LoadDotEnv(path string) error {
	err := godotenv.Load(path)
	if errors.Is(err, os.ErrNotExist) {
		return nil
	}
	return err
}

func Load() (*Config, error) {
	cfg := &Config{
		AppMode: strings.ToUpper(mustEnv("APP_MODE", ModeCLI)),
		LLM: LLMConfig{
			Model:         mustEnv("MODEL", ""),
			Backend:       strings.ToLower(mustEnv("BACKEND", BackendAuto)),
			APIBase:       mustEnv("API_BASE", ""),
			APIKey:        firstEnv("OPENAI_API_KEY", "API_KEY"),
			MaxTokens:     mustInt("MAX_TOKENS", 4096),
			ChunkDelay:    mustDuration("CHUNK_DELAY", 10*time.Millisecond),
			StrictUsage:   mustBool("STRICT_USAGE", false),
			EchoStream:    mustBool("ECHO_STREAM", true),
			DefaultSystem: mustEnv("DEFAULT_SYSTEM_PROMPT", ""),
			ClientTimeout: mustDuration("HTTP_TIMEOUT", 5*time.Minute),
		},
		HTTP: HTTPConfig{
			ListenAddr:  mustEnv("HTTP_LISTEN_ADDR", ":8080"),
			HealthPath:  mustEnv("HEALTH_PATH", "/healthz"),
			MetricsPath: mustEnv("METRICS_PATH", "/metrics"),
			ReadTimeout: mustDuration("HTTP_READ_TIMEOUT", 15*time.Second),
		},
		Redis: RedisConfig{
			Addr:        mustEnv("REDIS_ADDR", "127.0.0.1:6379"),
			Password:    mustEnv("REDIS_PASSWORD", ""),
			DB:          mustInt("REDIS_DB", 0),
			QueueStream: mustEnv("QUEUE_STREAM", "promptcaller:jobs"),
			QueueGroup:  mustEnv("QUEUE_GROUP", "promptcaller-workers"),
			QueueBlock:  mustDuration("QUEUE_BLOCK", 5*time.Second),
			UpdateTTL:   mustDuration("UPDATE_DEDUPE_TTL", 6*time.Hour),
		},
		DB: DBConfig{
			Driver:      strings.ToLower(mustEnv("DB_DRIVER", "sqlite")),
			DSN:         mustEnv("DB_DSN", "file:promptcaller.db?_pragma=busy_timeout(5000)"),
			AutoMigrate: mustBool("AUTO_MIGRATE", true),
		},
		Worker: WorkerConfig{
			Concurrency:  mustInt("WORKER_CONCURRENCY", 2),
			ConsumerName: mustEnv("WORKER_CONSUMER_NAME", hostnameOr("worker")),
			MaxRetries:   mustInt("WORKER_MAX_RETRIES", 2),
		},
		Rate: RateConfig{
			PerHour: int64(mustInt("RATE_LIMIT_PER_HOUR", 30)),
		},
		Telegram: TelegramConfig{
			BotToken:    mustEnv("BOT_TOKEN", ""),
			DevPolling:  mustBool("DEV_POLLING", false),
			WebhookURL:  mustEnv("WEBHOOK_URL", ""),
			SecretPath:  strings.Trim(mustEnv("WEBHOOK_SECRET_PATH", "telegram"), "/"),
			SecretToken: mustEnv("WEBHOOK_SECRET_TOKEN", ""),
		},
		Log: LogConfig{
			Level: strings.ToLower(mustEnv("LOG_LEVEL", "info")),
		},
	}

	if cfg.LLM.Model == "" {
		return nil, ErrMissingModel
	}
	switch cfg.LLM.Backend {
	case BackendAuto, BackendHosted:
	case BackendSelfHosted:
		if cfg.LLM.APIBase == "" {
			return nil, ErrMissingAPIBase
		}
	default:
		return nil, ErrInvalidBackend
	}
	if cfg.LLM.MaxTokens <= 0 {
		return nil, ErrInvalidMaxTokens
	}
	switch cfg.AppMode {
	case ModeCLI, ModeAPI, ModeWorker, ModeAll:
	default:
		return nil, fmt.Errorf("unsupported APP_MODE %q", cfg.AppMode)
	}
	if cfg.AppMode != ModeCLI && cfg.DB.DSN == "" {
		return nil, ErrMissingDatabaseDSN
	}

	cc, err := loadCryptoConfig()
	if err != nil {
		return nil, err
	}
	cfg.Crypto = cc

	return cfg, nil
}

// loadCryptoConfig collects TRANSCRIPT_KEY_<ID>_B64 variables.
func loadCryptoConfig() (CryptoConfig, error) {
	keysB64 := map[string]string{}
	for _, e := range os.Environ() {
		k, v, ok := strings.Cut(e, "=")
		if !ok {
			continue
		}
		if !strings.HasPrefix(k, "TRANSCRIPT_KEY_") || !strings.HasSuffix(k, "_B64") {
			continue
		}
		id := strings.TrimSuffix(strings.TrimPrefix(k, "TRANSCRIPT_KEY_"), "_B64")
		if id == "" || strings.TrimSpace(v) == "" {
			continue
		}
		keysB64[strings.ToLower(id)] = strings.TrimSpace(v)
	}
	if len(keysB64) == 0 {
		return CryptoConfig{}, nil
	}

	keys := make(map[string][]byte, len(keysB64))
	for id, b64 := range keysB64 {
		raw, err := base64.StdEncoding.DecodeString(b64)
		if err != nil {
			return CryptoConfig{}, fmt.Errorf("decode transcript key %q: %w", id, err)
		}
		if len(raw) != 32 {
			return CryptoConfig{}, fmt.Errorf("transcript key %q must be 32 bytes after base64 decode", id)
		}
		keys[id] = raw
	}

	current := strings.ToLower(mustEnv("TRANSCRIPT_KEY_CURRENT_ID", ""))
	if current == "" {
		if len(keys) > 1 {
			return CryptoConfig{}, fmt.Errorf("TRANSCRIPT_KEY_CURRENT_ID is required when several transcript keys are set")
		}
		for id := range keys {
			current = id
		}
	}
	if _, ok := keys[current]; !ok {
		return CryptoConfig{}, fmt.Errorf("TRANSCRIPT_KEY_CURRENT_ID=%q does not exist in provided keys", current)
	}
	return CryptoConfig{CurrentKeyID: current, Keys: keys}, nil
}

func mustEnv(key string, def string) string {
	if v := os.Getenv(key); v != "" {
		return strings.TrimSpace(v)
	}
	return def
}

func firstEnv(keys ...string) string {
	for _, k := range keys {
		if v := mustEnv(k, ""); v != "" {
			return v
		}
	}
	return ""
}

func mustInt(key string, def int) int {
	v := mustEnv(key, "")
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return def
	}
	return n
}

func mustBool(key string, def bool) bool {
	v := mustEnv(key, "")
	if v == "" {
		return def
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return def
	}
	return b
}

func mustDuration(key string, def time.Duration) time.Duration {
	v := mustEnv(key, "")
	if v == "" {
		return def
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return def
	}
	return d
}

func hostnameOr(def string) string {
	h, err := os.Hostname()
	if err != nil || strings.TrimSpace(h) == "" {
		return def
	}
	return h
}

package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/creasty/defaults"
	"github.com/go-playground/validator/v10"
	"github.com/joho/godotenv"
	"github.com/rs/zerolog/log"
	"gopkg.in/yaml.v3"
)

// Config holds all relay configuration. Values come from an optional YAML
// file, then environment variables, then struct defaults.
type Config struct {
	Service string `yaml:"service" default:"relay"`

	Log struct {
		Level  string `yaml:"level" default:"info" validate:"oneof=trace debug info warn error"`
		Format string `yaml:"format" default:"json" validate:"oneof=json console"`
	} `yaml:"log"`

	HTTP struct {
		Addr            string        `yaml:"addr" default:":8080"`
		ReadTimeout     time.Duration `yaml:"read_timeout" default:"10s"`
		WriteTimeout    time.Duration `yaml:"write_timeout" default:"60s"`
		ShutdownTimeout time.Duration `yaml:"shutdown_timeout" default:"15s"`
	} `yaml:"http"`

	SQLite struct {
		Path string `yaml:"path" default:"data/relay.db" validate:"required"`
	} `yaml:"sqlite"`

	Redis struct {
		Addr     string `yaml:"addr"`
		Password string `yaml:"password"`
		DB       int    `yaml:"db"`
	} `yaml:"redis"`

	Accounts struct {
		Driver      string `yaml:"driver" default:"sqlite" validate:"oneof=sqlite postgres"`
		PostgresDSN string `yaml:"postgres_dsn" validate:"required_if=Driver postgres"`
	} `yaml:"accounts"`

	Kafka struct {
		Brokers      []string      `yaml:"brokers"`
		SignalsTopic string        `yaml:"signals_topic" default:"trading.signals"`
		GroupID      string        `yaml:"group_id" default:"signal-relay"`
		RetryBackoff time.Duration `yaml:"retry_backoff" default:"2s"`
	} `yaml:"kafka"`

	ClickHouse struct {
		Host      string        `yaml:"host"`
		Port      int           `yaml:"port" default:"9000"`
		Database  string        `yaml:"database" default:"default"`
		User      string        `yaml:"user" default:"default"`
		Password  string        `yaml:"password"`
		Table     string        `yaml:"table" default:"relay_trades"`
		BatchSize int           `yaml:"batch_size" default:"200"`
		FlushWait time.Duration `yaml:"flush_wait" default:"2s"`
	} `yaml:"clickhouse"`

	Brokers Brokers `yaml:"brokers"`

	Dispatch struct {
		MaxWorkers int `yaml:"max_workers" default:"16" validate:"gte=1,lte=512"`
	} `yaml:"dispatch"`

	ExitMonitor struct {
		Disabled          bool          `yaml:"disabled"`
		Interval          time.Duration `yaml:"interval" default:"2s"`
		IgnoreMarketHours bool          `yaml:"ignore_market_hours"`
		Holidays          []string      `yaml:"holidays" validate:"dive,datetime=2006-01-02"`
	} `yaml:"exit_monitor"`

	Feed struct {
		Enabled    bool     `yaml:"enabled"`
		APIKey     string   `yaml:"api_key"`
		ClientCode string   `yaml:"client_code"`
		Password   string   `yaml:"password"`
		TOTPSecret string   `yaml:"totp_secret"`
		Tokens     []string `yaml:"tokens"` // "exchangeType:token", e.g. "2:55116"
	} `yaml:"feed"`

	Notify struct {
		TelegramBotToken string `yaml:"telegram_bot_token"`
		TelegramChatID   string `yaml:"telegram_chat_id"`
		WebhookURL       string `yaml:"webhook_url"`
	} `yaml:"notify"`

	Profiling struct {
		ServerAddress string `yaml:"server_address"`
	} `yaml:"profiling"`
}

// Brokers configures the broker adapters and the retry policy around them.
type Brokers struct {
	Dhan struct {
		BaseURL string `yaml:"base_url" default:"https://api.dhan.co"`
	} `yaml:"dhan"`

	AngelOne struct {
		BaseURL    string        `yaml:"base_url" default:"https://apiconnect.angelone.in"`
		SessionTTL time.Duration `yaml:"session_ttl" default:"6h"`
	} `yaml:"angelone"`

	Paper struct {
		Enabled     bool  `yaml:"enabled"`
		SlippageBps int64 `yaml:"slippage_bps" default:"5"`
	} `yaml:"paper"`

	Retry struct {
		MaxAttempts    int           `yaml:"max_attempts" default:"3" validate:"gte=1,lte=10"`
		InitialDelay   time.Duration `yaml:"initial_delay" default:"1s"`
		Multiplier     float64       `yaml:"multiplier" default:"2" validate:"gte=1"`
		AttemptTimeout time.Duration `yaml:"attempt_timeout" default:"10s"`
	} `yaml:"retry"`

	Breaker struct {
		MaxFailures  int           `yaml:"max_failures" default:"5" validate:"gte=1"`
		ResetTimeout time.Duration `yaml:"reset_timeout" default:"30s"`
	} `yaml:"breaker"`
}

var validate = validator.New()

// Load reads the YAML file at path (optional, "" skips it), applies
// environment overrides and defaults, and validates the result.
func Load(path string) (*Config, error) {
	// .env is optional; a missing file is normal outside development.
	if err := godotenv.Load(); err == nil {
		log.Info().Msg("[config] loaded .env")
	}

	cfg := &Config{}
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read config %s: %w", path, err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse config %s: %w", path, err)
		}
	}

	applyEnv(cfg)

	if err := defaults.Set(cfg); err != nil {
		return nil, fmt.Errorf("config defaults: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks struct rules plus cross-field constraints.
func (c *Config) Validate() error {
	if err := validate.Struct(c); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}
	if c.Feed.Enabled {
		if c.Feed.APIKey == "" || c.Feed.ClientCode == "" || c.Feed.Password == "" || c.Feed.TOTPSecret == "" {
			return errors.New("invalid config: feed enabled without angel one credentials")
		}
		if len(c.Feed.Tokens) == 0 {
			return errors.New("invalid config: feed enabled without tokens")
		}
	}
	return nil
}

// applyEnv overrides file values with environment variables when set.
func applyEnv(c *Config) {
	c.Log.Level = getEnv("LOG_LEVEL", c.Log.Level)
	c.HTTP.Addr = getEnv("HTTP_ADDR", c.HTTP.Addr)
	c.SQLite.Path = getEnv("SQLITE_PATH", c.SQLite.Path)

	c.Redis.Addr = getEnv("REDIS_ADDR", c.Redis.Addr)
	c.Redis.Password = getEnv("REDIS_PASSWORD", c.Redis.Password)

	c.Accounts.Driver = getEnv("ACCOUNTS_DRIVER", c.Accounts.Driver)
	c.Accounts.PostgresDSN = getEnv("ACCOUNTS_POSTGRES_DSN", c.Accounts.PostgresDSN)

	if v := os.Getenv("KAFKA_BROKERS"); v != "" {
		c.Kafka.Brokers = splitList(v)
	}
	c.ClickHouse.Host = getEnv("CLICKHOUSE_HOST", c.ClickHouse.Host)
	c.ClickHouse.Password = getEnv("CLICKHOUSE_PASSWORD", c.ClickHouse.Password)

	c.Brokers.Dhan.BaseURL = getEnv("DHAN_BASE_URL", c.Brokers.Dhan.BaseURL)
	c.Brokers.AngelOne.BaseURL = getEnv("ANGEL_BASE_URL", c.Brokers.AngelOne.BaseURL)
	if v := os.Getenv("PAPER_TRADING"); v != "" {
		c.Brokers.Paper.Enabled, _ = strconv.ParseBool(v)
	}

	c.Feed.APIKey = getEnv("ANGEL_API_KEY", c.Feed.APIKey)
	c.Feed.ClientCode = getEnv("ANGEL_CLIENT_CODE", c.Feed.ClientCode)
	c.Feed.Password = getEnv("ANGEL_PASSWORD", c.Feed.Password)
	c.Feed.TOTPSecret = getEnv("ANGEL_TOTP_SECRET", c.Feed.TOTPSecret)
	if v := os.Getenv("SUBSCRIBE_TOKENS"); v != "" {
		c.Feed.Tokens = splitList(v)
	}

	c.Notify.TelegramBotToken = getEnv("TELEGRAM_BOT_TOKEN", c.Notify.TelegramBotToken)
	c.Notify.TelegramChatID = getEnv("TELEGRAM_CHAT_ID", c.Notify.TelegramChatID)
	c.Notify.WebhookURL = getEnv("ALERT_WEBHOOK_URL", c.Notify.WebhookURL)

	c.Profiling.ServerAddress = getEnv("PYROSCOPE_ADDR", c.Profiling.ServerAddress)
}

func splitList(s string) []string {
	parts := strings.Split(s, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p == "" {
			log.Warn().Str("value", s).Msg("[config] skipping empty list entry")
			continue
		}
		out = append(out, p)
	}
	return out
}

func getEnv(key, fallback string) string {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	return v
}

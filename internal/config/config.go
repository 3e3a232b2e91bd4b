// Package config provides application configuration.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// Config holds all application configuration.
type Config struct {
	Port        string
	FrontendURL string
	AdminSecret string

	Store     StoreConfig
	Desk      DeskConfig
	Assistant AssistantConfig
	Events    EventsConfig

	TextsFile       string
	ConversationLog ConversationLogConfig
}

// StoreConfig selects the persistence backend.
type StoreConfig struct {
	Backend        string
	DBPath         string
	RedisAddr      string
	RedisPassword  string
	RedisDB        int
	RedisKeyPrefix string
}

// DeskConfig controls hand-off behavior.
type DeskConfig struct {
	OperatorIDs       []string
	ExitKeywords      []string
	SenderPrefix      bool
	NotifyConcurrency int
	DisconnectGrace   time.Duration
}

// AssistantConfig controls the assistant backend connection.
type AssistantConfig struct {
	Addr          string
	Timeout       time.Duration
	SearchEnabled bool
	ToolsEnabled  bool
	SearchIndexID string
	RatePerMinute int
	HistoryLimit  int
}

// EventsConfig controls domain event publishing.
type EventsConfig struct {
	AMQPURL  string
	Exchange string
}

// ConversationLogConfig controls JSON conversation logging.
type ConversationLogConfig struct {
	Enabled       bool
	Dir           string
	GlobalEnabled bool
	GlobalPath    string
	QueueSize     int
}

// Load reads configuration from environment variables.
func Load() (*Config, error) {
	queueSize := getEnvInt("CONVERSATION_LOG_QUEUE_SIZE", 1000)
	if queueSize <= 0 {
		queueSize = 1000
	}

	cfg := &Config{
		Port:        getEnv("PORT", "8080"),
		FrontendURL: getEnv("FRONTEND_URL", ""),
		AdminSecret: getEnv("ADMIN_SECRET", ""),
		Store: StoreConfig{
			Backend:        strings.ToLower(getEnv("STORE_BACKEND", "sqlite")),
			DBPath:         getEnv("DB_PATH", "./data/handoff.db"),
			RedisAddr:      getEnv("REDIS_ADDR", "localhost:6379"),
			RedisPassword:  getEnv("REDIS_PASSWORD", ""),
			RedisDB:        getEnvInt("REDIS_DB", 0),
			RedisKeyPrefix: getEnv("REDIS_KEY_PREFIX", "handoff:"),
		},
		Desk: DeskConfig{
			OperatorIDs:       getEnvList("OPERATOR_IDS", nil),
			ExitKeywords:      getEnvList("EXIT_KEYWORDS", []string{"stop", "end", "завершить", "закончить", "стоп"}),
			SenderPrefix:      getEnvBool("RELAY_SENDER_PREFIX", false),
			NotifyConcurrency: getEnvInt("NOTIFY_CONCURRENCY", 8),
			DisconnectGrace:   getEnvDuration("DISCONNECT_GRACE", 30*time.Second),
		},
		Assistant: AssistantConfig{
			Addr:          getEnv("ASSISTANT_ADDR", ""),
			Timeout:       getEnvDuration("ASSISTANT_TIMEOUT", 30*time.Second),
			SearchEnabled: getEnvBool("ASSISTANT_SEARCH_ENABLED", false),
			ToolsEnabled:  getEnvBool("ASSISTANT_TOOLS_ENABLED", true),
			SearchIndexID: getEnv("ASSISTANT_SEARCH_INDEX_ID", ""),
			RatePerMinute: getEnvInt("ASSISTANT_RATE_PER_MINUTE", 20),
			HistoryLimit:  getEnvInt("ASSISTANT_HISTORY_LIMIT", 10),
		},
		Events: EventsConfig{
			AMQPURL:  getEnv("AMQP_URL", ""),
			Exchange: getEnv("AMQP_EXCHANGE", "handoff"),
		},
		TextsFile: getEnv("TEXTS_FILE", ""),
		ConversationLog: ConversationLogConfig{
			Enabled:       getEnvBool("CONVERSATION_LOG_ENABLED", true),
			Dir:           getEnv("CONVERSATION_LOG_DIR", "./data/logs/conversations"),
			GlobalEnabled: getEnvBool("CONVERSATION_LOG_GLOBAL_ENABLED", false),
			GlobalPath:    getEnv("CONVERSATION_LOG_GLOBAL_PATH", "./data/logs/conversations/all.ndjson"),
			QueueSize:     queueSize,
		},
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return cfg, nil
}

// Validate checks that all required configuration fields are set.
func (c *Config) Validate() error {
	if c.Port == "" {
		return fmt.Errorf("PORT cannot be empty")
	}
	if c.AdminSecret == "" {
		return fmt.Errorf("ADMIN_SECRET must be set")
	}
	switch c.Store.Backend {
	case "sqlite":
		if c.Store.DBPath == "" {
			return fmt.Errorf("DB_PATH cannot be empty")
		}
	case "redis":
		if c.Store.RedisAddr == "" {
			return fmt.Errorf("REDIS_ADDR cannot be empty")
		}
	case "memory":
	default:
		return fmt.Errorf("STORE_BACKEND must be sqlite, redis or memory, got %q", c.Store.Backend)
	}
	if c.Desk.NotifyConcurrency <= 0 {
		return fmt.Errorf("NOTIFY_CONCURRENCY must be > 0")
	}
	if c.Desk.DisconnectGrace < 0 {
		return fmt.Errorf("DISCONNECT_GRACE cannot be negative")
	}
	if len(c.Desk.ExitKeywords) == 0 {
		return fmt.Errorf("EXIT_KEYWORDS cannot be empty")
	}
	if c.Assistant.Timeout <= 0 {
		return fmt.Errorf("ASSISTANT_TIMEOUT must be > 0")
	}
	if c.Assistant.RatePerMinute < 0 {
		return fmt.Errorf("ASSISTANT_RATE_PER_MINUTE cannot be negative")
	}
	if c.Assistant.HistoryLimit <= 0 {
		return fmt.Errorf("ASSISTANT_HISTORY_LIMIT must be > 0")
	}
	if c.Events.AMQPURL != "" && c.Events.Exchange == "" {
		return fmt.Errorf("AMQP_EXCHANGE cannot be empty when AMQP_URL is set")
	}
	if c.ConversationLog.Dir == "" {
		return fmt.Errorf("CONVERSATION_LOG_DIR cannot be empty")
	}
	if c.ConversationLog.GlobalPath == "" {
		return fmt.Errorf("CONVERSATION_LOG_GLOBAL_PATH cannot be empty")
	}
	if c.ConversationLog.QueueSize <= 0 {
		return fmt.Errorf("CONVERSATION_LOG_QUEUE_SIZE must be > 0")
	}
	return nil
}

// IsDevelopment returns true if running in development mode.
func (c *Config) IsDevelopment() bool {
	return c.FrontendURL == "" ||
		strings.Contains(c.FrontendURL, "localhost") ||
		strings.Contains(c.FrontendURL, "127.0.0.1")
}

func getEnv(key, fallback string) string {
	if value, ok := os.LookupEnv(key); ok {
		return value
	}
	return fallback
}

func getEnvBool(key string, fallback bool) bool {
	value, ok := os.LookupEnv(key)
	if !ok {
		return fallback
	}
	switch strings.ToLower(strings.TrimSpace(value)) {
	case "1", "true", "yes", "on":
		return true
	case "0", "false", "no", "off":
		return false
	default:
		return fallback
	}
}

func getEnvInt(key string, fallback int) int {
	value, ok := os.LookupEnv(key)
	if !ok {
		return fallback
	}
	n, err := strconv.Atoi(strings.TrimSpace(value))
	if err != nil {
		return fallback
	}
	return n
}

func getEnvDuration(key string, fallback time.Duration) time.Duration {
	value, ok := os.LookupEnv(key)
	if !ok {
		return fallback
	}
	d, err := time.ParseDuration(strings.TrimSpace(value))
	if err != nil {
		return fallback
	}
	return d
}

// getEnvList splits a comma-separated value, dropping empty items.
func getEnvList(key string, fallback []string) []string {
	value, ok := os.LookupEnv(key)
	if !ok {
		return fallback
	}
	var out []string
	for _, item := range strings.Split(value, ",") {
		if item = strings.TrimSpace(item); item != "" {
			out = append(out, item)
		}
	}
	return out
}

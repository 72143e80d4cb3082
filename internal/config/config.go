// Package config loads the relay configuration from the environment and an
// optional .env file.
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
	_ "time/tzdata"

	"github.com/joho/godotenv"
)

type Config struct {
	// Telegram
	BotToken           string
	SourceChannelID    int64
	TargetChannelID    int64
	SecondaryChannelID int64
	AdminIDs           []int64

	// Storage
	DBDriver    string
	DatabaseURL string

	// Optional AMQP ingest. With AMQPNonBlocking a full delivery queue
	// sends the message back to the broker instead of blocking the consumer.
	AMQPURL         string
	AMQPQueue       string
	AMQPNonBlocking bool

	// Admin HTTP. The admin routes stay closed while AdminAPIToken is empty.
	HTTPAddr      string
	AdminAPIToken string

	// Delivery log rows older than this are pruned hourly. Zero keeps
	// everything.
	DeliveryRetention time.Duration

	// Pipeline limits
	MaxMessagesPerMinute int
	MaxSendsPerMinute    int
	QueueCapacity        int
	QueueDelay           time.Duration
	SendDelay            time.Duration
	SendDelayJitter      time.Duration
	DepthDelay           time.Duration
	RetryAttempts        int
	RetryDelayBase       time.Duration
	RetryJitter          time.Duration

	// Presentation
	Locale      string
	Timezone    *time.Location
	GiftLink    string
	AxiomLink   string
	SupportLink string

	// Logging
	LogLevel  string
	LogFormat string
}

// Load reads .env (if present) and the environment. Missing required
// values and malformed numbers are reported together.
func Load() (*Config, error) {
	_ = godotenv.Load()

	var errs []error
	cfg := &Config{
		BotToken:           os.Getenv("BOT_TOKEN"),
		SourceChannelID:    getEnvInt64("SOURCE_CHANNEL_ID", 0, &errs),
		TargetChannelID:    getEnvInt64("TARGET_CHANNEL_ID", 0, &errs),
		SecondaryChannelID: getEnvInt64("SECONDARY_CHANNEL_ID", 0, &errs),
		AdminIDs:           getEnvIDs("ADMIN_IDS", &errs),

		DBDriver:    getEnv("DB_DRIVER", "sqlite"),
		DatabaseURL: getEnv("DATABASE_URL", "relay.db"),

		AMQPURL:   os.Getenv("AMQP_URL"),
		AMQPQueue: getEnv("AMQP_QUEUE", "alerts"),

		AMQPNonBlocking: getEnvBool("AMQP_NON_BLOCKING", true, &errs),

		HTTPAddr:      getEnv("HTTP_ADDR", "127.0.0.1:8080"),
		AdminAPIToken: os.Getenv("ADMIN_API_TOKEN"),

		DeliveryRetention: time.Duration(getEnvInt("DELIVERY_RETENTION_HOURS", 168, &errs)) * time.Hour,

		MaxMessagesPerMinute: getEnvInt("MAX_MESSAGES_PER_MINUTE", 20, &errs),
		MaxSendsPerMinute:    getEnvInt("MAX_SENDS_PER_MINUTE", 20, &errs),
		QueueCapacity:        getEnvInt("QUEUE_CAPACITY", 100, &errs),
		QueueDelay:           getEnvSeconds("QUEUE_DELAY_SECONDS", 1, &errs),
		SendDelay:            getEnvSeconds("SEND_DELAY_SECONDS", 3, &errs),
		SendDelayJitter:      getEnvSeconds("SEND_DELAY_JITTER", 2, &errs),
		DepthDelay:           getEnvSeconds("DEPTH_DELAY_SECONDS", 0.1, &errs),
		RetryAttempts:        getEnvInt("RETRY_ATTEMPTS", 3, &errs),
		RetryDelayBase:       getEnvSeconds("RETRY_DELAY_BASE", 5, &errs),
		RetryJitter:          getEnvSeconds("RETRY_JITTER", 5, &errs),

		Locale:      getEnv("LOCALE", "fa"),
		GiftLink:    os.Getenv("GIFT_LINK"),
		AxiomLink:   os.Getenv("AXIOM_LINK"),
		SupportLink: os.Getenv("SUPPORT_LINK"),

		LogLevel:  getEnv("LOG_LEVEL", "info"),
		LogFormat: getEnv("LOG_FORMAT", "text"),
	}

	loc, err := time.LoadLocation(getEnv("TIMEZONE", "UTC"))
	if err != nil {
		errs = append(errs, fmt.Errorf("TIMEZONE: %w", err))
		loc = time.UTC
	}
	cfg.Timezone = loc

	if cfg.BotToken == "" {
		errs = append(errs, errors.New("BOT_TOKEN is required"))
	}
	if cfg.SourceChannelID == 0 {
		errs = append(errs, errors.New("SOURCE_CHANNEL_ID is required"))
	}
	if cfg.TargetChannelID == 0 {
		errs = append(errs, errors.New("TARGET_CHANNEL_ID is required"))
	}
	if cfg.MaxMessagesPerMinute <= 0 || cfg.MaxSendsPerMinute <= 0 {
		errs = append(errs, errors.New("rate limits must be positive"))
	}
	if cfg.RetryAttempts <= 0 {
		errs = append(errs, errors.New("RETRY_ATTEMPTS must be positive"))
	}

	if err := errors.Join(errs...); err != nil {
		return nil, fmt.Errorf("config: %w", err)
	}
	return cfg, nil
}

// IsAdmin reports whether id is on the admin allow-list.
func (c *Config) IsAdmin(id int64) bool {
	for _, a := range c.AdminIDs {
		if a == id {
			return true
		}
	}
	return false
}

func getEnv(key, defaultVal string) string {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		return v
	}
	return defaultVal
}

func getEnvInt(key string, defaultVal int, errs *[]error) int {
	val := strings.TrimSpace(os.Getenv(key))
	if val == "" {
		return defaultVal
	}
	n, err := strconv.Atoi(val)
	if err != nil {
		*errs = append(*errs, fmt.Errorf("%s: %w", key, err))
		return defaultVal
	}
	return n
}

func getEnvInt64(key string, defaultVal int64, errs *[]error) int64 {
	val := strings.TrimSpace(os.Getenv(key))
	if val == "" {
		return defaultVal
	}
	n, err := strconv.ParseInt(val, 10, 64)
	if err != nil {
		*errs = append(*errs, fmt.Errorf("%s: %w", key, err))
		return defaultVal
	}
	return n
}

func getEnvBool(key string, defaultVal bool, errs *[]error) bool {
	val := strings.TrimSpace(os.Getenv(key))
	if val == "" {
		return defaultVal
	}
	b, err := strconv.ParseBool(val)
	if err != nil {
		*errs = append(*errs, fmt.Errorf("%s: %w", key, err))
		return defaultVal
	}
	return b
}

// getEnvSeconds reads a possibly fractional number of seconds.
func getEnvSeconds(key string, defaultVal float64, errs *[]error) time.Duration {
	f := defaultVal
	if val := strings.TrimSpace(os.Getenv(key)); val != "" {
		parsed, err := strconv.ParseFloat(val, 64)
		if err != nil || parsed < 0 {
			*errs = append(*errs, fmt.Errorf("%s: invalid seconds %q", key, val))
		} else {
			f = parsed
		}
	}
	return time.Duration(f * float64(time.Second))
}

func getEnvIDs(key string, errs *[]error) []int64 {
	var ids []int64
	for _, part := range strings.Split(os.Getenv(key), ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		id, err := strconv.ParseInt(part, 10, 64)
		if err != nil {
			*errs = append(*errs, fmt.Errorf("%s: %w", key, err))
			continue
		}
		ids = append(ids, id)
	}
	return ids
}

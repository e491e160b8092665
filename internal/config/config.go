package config

import (
	"errors"
	"fmt"
	"net"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

type Config struct {
	// MQTT
	MQTTHost     string
	MQTTPort     string
	MQTTTopic    string
	MQTTUsername string
	MQTTPassword string
	MQTTClientID string
	MQTTQoS      int

	// MES
	MESBaseURL        string
	MESToken          string
	MESOpID           string
	MESStepID         string
	MESTimeoutSeconds int
	MESMaxRetries     int
	MESRetryBaseMS    int

	// Derivation
	RunningStatus        string
	TemperatureThreshold float64
	VibrationThreshold   float64
	CountJumpCeiling     int64

	// Pipeline channels
	InboundChannelSize int
	EventQueueSize     int
	JournalChannelSize int
	StateChannelSize   int

	// HTTP
	HTTPPort            string
	HTTPIngestEnabled   bool
	ValidAPIKeys        []string
	AuthCacheTTLSeconds int

	// Redis
	RedisEnabled                bool
	RedisAddr                   string
	RedisPassword               string
	RedisDB                     int
	QualityAlarmCooldownSeconds int

	// Dispatch journal (Postgres)
	JournalEnabled         bool
	DBHost                 string
	DBPort                 string
	DBUser                 string
	DBPassword             string
	DBName                 string
	DBMaxConns             int32
	JournalBatchSize       int
	JournalFlushIntervalMS int

	// Process
	LogLevel             string
	LogFormat            string
	ShutdownGraceSeconds int
}

// Load reads configuration from the environment after merging an optional
// .env file from the working directory. Variables already set in the
// environment win over the file.
func Load() *Config {
	_ = godotenv.Load()
	return FromEnv()
}

// FromEnv reads configuration from the process environment only.
func FromEnv() *Config {
	return &Config{
		MQTTHost:     getEnv("MQTT_HOST", "localhost"),
		MQTTPort:     getEnv("MQTT_PORT", "1883"),
		MQTTTopic:    getEnv("MQTT_TOPIC", "v1/devices/me/telemetry"),
		MQTTUsername: getEnv("MQTT_USERNAME", ""),
		MQTTPassword: getEnv("MQTT_PASSWORD", ""),
		MQTTClientID: getEnv("MQTT_CLIENT_ID", "telemetry-bridge"),
		MQTTQoS:      getEnvInt("MQTT_QOS", 1),

		MESBaseURL:        getEnv("MES_BASE_URL", "http://localhost:3050/api/v1"),
		MESToken:          getEnv("MES_TOKEN", ""),
		MESOpID:           getEnv("MES_OP_ID", ""),
		MESStepID:         getEnv("MES_STEP_ID", ""),
		MESTimeoutSeconds: getEnvInt("MES_TIMEOUT_SECONDS", 10),
		MESMaxRetries:     getEnvInt("MES_MAX_RETRIES", 0),
		MESRetryBaseMS:    getEnvInt("MES_RETRY_BASE_MS", 200),

		RunningStatus:        getEnv("RUNNING_STATUS", "running"),
		TemperatureThreshold: getEnvFloat("TEMPERATURE_THRESHOLD", 80.0),
		VibrationThreshold:   getEnvFloat("VIBRATION_THRESHOLD", 10.0),
		CountJumpCeiling:     int64(getEnvInt("COUNT_JUMP_CEILING", 1000)),

		InboundChannelSize: getEnvInt("INBOUND_CHANNEL_SIZE", 1000),
		EventQueueSize:     getEnvInt("EVENT_QUEUE_SIZE", 1000),
		JournalChannelSize: getEnvInt("JOURNAL_CHANNEL_SIZE", 10000),
		StateChannelSize:   getEnvInt("STATE_CHANNEL_SIZE", 1000),

		HTTPPort:            getEnv("HTTP_PORT", "8001"),
		HTTPIngestEnabled:   getEnvBool("HTTP_INGEST_ENABLED", false),
		ValidAPIKeys:        splitList(getEnv("VALID_API_KEYS", "")),
		AuthCacheTTLSeconds: getEnvInt("AUTH_CACHE_TTL_SECONDS", 300),

		RedisEnabled:                getEnvBool("REDIS_ENABLED", false),
		RedisAddr:                   getEnv("REDIS_ADDR", "localhost:6379"),
		RedisPassword:               getEnv("REDIS_PASSWORD", ""),
		RedisDB:                     getEnvInt("REDIS_DB", 0),
		QualityAlarmCooldownSeconds: getEnvInt("QUALITY_ALARM_COOLDOWN_SECONDS", 0),

		JournalEnabled:         getEnvBool("JOURNAL_ENABLED", false),
		DBHost:                 getEnv("DB_HOST", "localhost"),
		DBPort:                 getEnv("DB_PORT", "5432"),
		DBUser:                 getEnv("DB_USER", "mes_bridge"),
		DBPassword:             getEnv("DB_PASSWORD", "mes_bridge"),
		DBName:                 getEnv("DB_NAME", "mes_bridge"),
		DBMaxConns:             int32(getEnvInt("DB_MAX_CONNS", 5)),
		JournalBatchSize:       getEnvInt("JOURNAL_BATCH_SIZE", 100),
		JournalFlushIntervalMS: getEnvInt("JOURNAL_FLUSH_INTERVAL_MS", 500),

		LogLevel:             getEnv("LOG_LEVEL", "info"),
		LogFormat:            getEnv("LOG_FORMAT", "json"),
		ShutdownGraceSeconds: getEnvInt("SHUTDOWN_GRACE_SECONDS", 10),
	}
}

// Validate reports every setting that would make the bridge misbehave.
func (c *Config) Validate() error {
	var errs []error

	if c.MQTTHost == "" || c.MQTTTopic == "" {
		errs = append(errs, errors.New("MQTT_HOST and MQTT_TOPIC are required"))
	}
	if c.MQTTQoS < 0 || c.MQTTQoS > 2 {
		errs = append(errs, fmt.Errorf("MQTT_QOS must be 0, 1 or 2, got %d", c.MQTTQoS))
	}
	if u, err := url.Parse(c.MESBaseURL); err != nil || u.Scheme == "" || u.Host == "" {
		errs = append(errs, fmt.Errorf("MES_BASE_URL %q is not an absolute URL", c.MESBaseURL))
	}
	if c.CountJumpCeiling <= 0 {
		errs = append(errs, fmt.Errorf("COUNT_JUMP_CEILING must be positive, got %d", c.CountJumpCeiling))
	}
	if c.RunningStatus == "" {
		errs = append(errs, errors.New("RUNNING_STATUS must not be empty"))
	}
	if c.MESTimeoutSeconds <= 0 {
		errs = append(errs, fmt.Errorf("MES_TIMEOUT_SECONDS must be positive, got %d", c.MESTimeoutSeconds))
	}
	if c.MESMaxRetries < 0 || c.MESMaxRetries > 10 {
		errs = append(errs, fmt.Errorf("MES_MAX_RETRIES must be between 0 and 10, got %d", c.MESMaxRetries))
	}
	for name, size := range map[string]int{
		"INBOUND_CHANNEL_SIZE": c.InboundChannelSize,
		"EVENT_QUEUE_SIZE":     c.EventQueueSize,
		"JOURNAL_CHANNEL_SIZE": c.JournalChannelSize,
		"STATE_CHANNEL_SIZE":   c.StateChannelSize,
	} {
		if size <= 0 {
			errs = append(errs, fmt.Errorf("%s must be positive, got %d", name, size))
		}
	}

	return errors.Join(errs...)
}

func (c *Config) MESTimeout() time.Duration {
	return time.Duration(c.MESTimeoutSeconds) * time.Second
}

func (c *Config) MESRetryBase() time.Duration {
	return time.Duration(c.MESRetryBaseMS) * time.Millisecond
}

func (c *Config) QualityAlarmCooldown() time.Duration {
	return time.Duration(c.QualityAlarmCooldownSeconds) * time.Second
}

func (c *Config) ShutdownGrace() time.Duration {
	return time.Duration(c.ShutdownGraceSeconds) * time.Second
}

func (c *Config) DatabaseURL() string {
	u := url.URL{
		Scheme:   "postgres",
		User:     url.UserPassword(c.DBUser, c.DBPassword),
		Host:     net.JoinHostPort(c.DBHost, c.DBPort),
		Path:     "/" + c.DBName,
		RawQuery: fmt.Sprintf("pool_max_conns=%d", c.DBMaxConns),
	}
	return u.String()
}

func getEnv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func getEnvInt(key string, fallback int) int {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return fallback
	}
	return n
}

func getEnvFloat(key string, fallback float64) float64 {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		return fallback
	}
	return f
}

func getEnvBool(key string, fallback bool) bool {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return fallback
	}
	return b
}

func splitList(v string) []string {
	var out []string
	for _, s := range strings.Split(v, ",") {
		if s = strings.TrimSpace(s); s != "" {
			out = append(out, s)
		}
	}
	return out
}

package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

const (
	StorageMemory   = "memory"
	StoragePostgres = "postgres"

	TransportKafka = "kafka"
	TransportNats  = "nats"
	TransportLog   = "log"
)

type Config struct {
	HTTPPort string `yaml:"http_port"`
	Username string `yaml:"username"`
	Password string `yaml:"password"`

	Storage  string `yaml:"storage"`
	DSN      string `yaml:"dsn"`
	DataFile string `yaml:"data_file"`

	// VolunteersFile seeds volunteer profiles into the memory store.
	VolunteersFile string `yaml:"volunteers_file"`

	NotifyTransport string   `yaml:"notify_transport"`
	NotifyConsume   bool     `yaml:"notify_consume"`
	KafkaBrokers    []string `yaml:"kafka_brokers"`
	KafkaGroupID    string   `yaml:"kafka_group_id"`
	NotifyTopic     string   `yaml:"notify_topic"`
	NatsURL         string   `yaml:"nats_url"`

	RedisAddr     string `yaml:"redis_addr"`
	RedisPassword string `yaml:"redis_password"`
	RedisDB       int    `yaml:"redis_db"`

	ClickHouseAddr     string `yaml:"clickhouse_addr"`
	ClickHouseDatabase string `yaml:"clickhouse_database"`
	ClickHouseUser     string `yaml:"clickhouse_user"`
	ClickHousePassword string `yaml:"clickhouse_password"`

	RequestTTL          time.Duration `yaml:"request_ttl"`
	DeclineCooldown     time.Duration `yaml:"decline_cooldown"`
	CodeTTL             time.Duration `yaml:"code_ttl"`
	CodeLength          int           `yaml:"code_length"`
	MaxCodeAttempts     int           `yaml:"max_code_attempts"`
	MaxItemsPerBatch    int           `yaml:"max_items_per_batch"`
	ExpirySweepInterval time.Duration `yaml:"expiry_sweep_interval"`
	VolunteerCacheTTL   time.Duration `yaml:"volunteer_cache_ttl"`

	OutboxPollInterval time.Duration `yaml:"outbox_poll_interval"`
	OutboxBatchSize    int           `yaml:"outbox_batch_size"`
	OutboxMaxAttempts  int           `yaml:"outbox_max_attempts"`
	OutboxRetryDelay   time.Duration `yaml:"outbox_retry_delay"`

	AuditWorkers   int           `yaml:"audit_workers"`
	AuditBatchSize int           `yaml:"audit_batch_size"`
	AuditTimeout   time.Duration `yaml:"audit_timeout"`
	FilterWord     string        `yaml:"filter_word"`
}

func Default() *Config {
	return &Config{
		HTTPPort:            "9000",
		Username:            "admin",
		Password:            "secret",
		Storage:             StorageMemory,
		DSN:                 "host=localhost user=postgres password=postgres dbname=fulfillment sslmode=disable",
		NotifyTransport:     TransportLog,
		KafkaBrokers:        []string{"localhost:9092"},
		KafkaGroupID:        "fulfillment-notify",
		NotifyTopic:         "assignment-events",
		NatsURL:             "nats://localhost:4222",
		ClickHouseDatabase:  "default",
		RequestTTL:          30 * time.Minute,
		CodeTTL:             24 * time.Hour,
		CodeLength:          6,
		MaxCodeAttempts:     5,
		ExpirySweepInterval: time.Minute,
		VolunteerCacheTTL:   time.Minute,
		OutboxPollInterval:  2 * time.Second,
		OutboxBatchSize:     50,
		OutboxMaxAttempts:   5,
		OutboxRetryDelay:    10 * time.Second,
		AuditWorkers:        2,
		AuditBatchSize:      5,
		AuditTimeout:        500 * time.Millisecond,
	}
}

// LoadConfig builds the configuration from defaults, then the YAML file named
// by CONFIG_FILE, then environment variables. With APP_ENV=local a .env file
// is loaded into the environment first.
func LoadConfig() (*Config, error) {
	if os.Getenv("APP_ENV") == "local" {
		if err := godotenv.Load(); err != nil && !os.IsNotExist(err) {
			return nil, fmt.Errorf("load .env: %w", err)
		}
	}
	cfg := Default()
	if path := os.Getenv("CONFIG_FILE"); path != "" {
		if err := cfg.loadFile(path); err != nil {
			return nil, err
		}
	}
	if err := cfg.applyEnv(); err != nil {
		return nil, err
	}
	return cfg, cfg.validate()
}

func (c *Config) loadFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read config %s: %w", path, err)
	}
	if err := yaml.Unmarshal(data, c); err != nil {
		return fmt.Errorf("parse config %s: %w", path, err)
	}
	return nil
}

func (c *Config) applyEnv() error {
	c.HTTPPort = getEnv("APP_PORT", c.HTTPPort)
	c.Username = getEnv("APP_USER", c.Username)
	c.Password = getEnv("APP_PASS", c.Password)
	c.Storage = getEnv("APP_STORAGE", c.Storage)
	c.DSN = getEnv("APP_DSN", c.DSN)
	c.DataFile = getEnv("APP_DATA_FILE", c.DataFile)
	c.VolunteersFile = getEnv("APP_VOLUNTEERS_FILE", c.VolunteersFile)
	c.FilterWord = getEnv("APP_FILTER", c.FilterWord)

	c.NotifyTransport = getEnv("NOTIFY_TRANSPORT", c.NotifyTransport)
	if v, ok := os.LookupEnv("KAFKA_BROKERS"); ok {
		c.KafkaBrokers = strings.Split(v, ",")
	}
	c.KafkaGroupID = getEnv("KAFKA_GROUP_ID", c.KafkaGroupID)
	c.NotifyTopic = getEnv("NOTIFY_TOPIC", c.NotifyTopic)
	c.NatsURL = getEnv("NATS_URL", c.NatsURL)

	c.RedisAddr = getEnv("REDIS_ADDR", c.RedisAddr)
	c.RedisPassword = getEnv("REDIS_PASSWORD", c.RedisPassword)

	c.ClickHouseAddr = getEnv("CLICKHOUSE_ADDR", c.ClickHouseAddr)
	c.ClickHouseDatabase = getEnv("CLICKHOUSE_DATABASE", c.ClickHouseDatabase)
	c.ClickHouseUser = getEnv("CLICKHOUSE_USER", c.ClickHouseUser)
	c.ClickHousePassword = getEnv("CLICKHOUSE_PASSWORD", c.ClickHousePassword)

	var err error
	set := func(e error) {
		if err == nil {
			err = e
		}
	}
	set(envBool("NOTIFY_CONSUME", &c.NotifyConsume))
	set(envInt("REDIS_DB", &c.RedisDB))
	set(envDuration("REQUEST_TTL", &c.RequestTTL))
	set(envDuration("DECLINE_COOLDOWN", &c.DeclineCooldown))
	set(envDuration("CODE_TTL", &c.CodeTTL))
	set(envInt("CODE_LENGTH", &c.CodeLength))
	set(envInt("MAX_CODE_ATTEMPTS", &c.MaxCodeAttempts))
	set(envInt("MAX_ITEMS_PER_BATCH", &c.MaxItemsPerBatch))
	set(envDuration("EXPIRY_SWEEP_INTERVAL", &c.ExpirySweepInterval))
	set(envDuration("VOLUNTEER_CACHE_TTL", &c.VolunteerCacheTTL))
	set(envDuration("OUTBOX_POLL_INTERVAL", &c.OutboxPollInterval))
	set(envInt("OUTBOX_BATCH_SIZE", &c.OutboxBatchSize))
	set(envInt("OUTBOX_MAX_ATTEMPTS", &c.OutboxMaxAttempts))
	set(envDuration("OUTBOX_RETRY_DELAY", &c.OutboxRetryDelay))
	set(envInt("AUDIT_WORKERS", &c.AuditWorkers))
	set(envInt("AUDIT_BATCH_SIZE", &c.AuditBatchSize))
	set(envDuration("AUDIT_TIMEOUT", &c.AuditTimeout))
	return err
}

func (c *Config) validate() error {
	switch c.Storage {
	case StorageMemory, StoragePostgres:
	default:
		return fmt.Errorf("unknown storage %q", c.Storage)
	}
	switch c.NotifyTransport {
	case TransportKafka, TransportNats, TransportLog:
	default:
		return fmt.Errorf("unknown notify transport %q", c.NotifyTransport)
	}
	if c.RequestTTL <= 0 || c.CodeTTL <= 0 {
		return fmt.Errorf("request_ttl and code_ttl must be positive")
	}
	if c.CodeLength < 4 {
		return fmt.Errorf("code_length must be at least 4, got %d", c.CodeLength)
	}
	return nil
}

func getEnv(key, defaultVal string) string {
	if value, exists := os.LookupEnv(key); exists {
		return value
	}
	return defaultVal
}

func envInt(key string, dst *int) error {
	v, ok := os.LookupEnv(key)
	if !ok {
		return nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return fmt.Errorf("%s: %w", key, err)
	}
	*dst = n
	return nil
}

func envBool(key string, dst *bool) error {
	v, ok := os.LookupEnv(key)
	if !ok {
		return nil
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return fmt.Errorf("%s: %w", key, err)
	}
	*dst = b
	return nil
}

func envDuration(key string, dst *time.Duration) error {
	v, ok := os.LookupEnv(key)
	if !ok {
		return nil
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return fmt.Errorf("%s: %w", key, err)
	}
	*dst = d
	return nil
}

func (c *Config) Addr() string {
	return fmt.Sprintf(":%s", c.HTTPPort)
}

package config

import (
	"errors"
	"os"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

type Config struct {
	Experiment ExperimentConfig `yaml:"experiment"`
	Storage    StorageConfig    `yaml:"storage"`
	Audit      AuditConfig      `yaml:"audit"`
	Buffer     BufferConfig     `yaml:"buffer"`
	Server     ServerConfig     `yaml:"server"`
	GeoIP      GeoIPConfig      `yaml:"geoip"`
	Ranking    RankingConfig    `yaml:"ranking"`
}

type ExperimentConfig struct {
	Variants      []string      `yaml:"variants"`
	SplitRatio    *float64      `yaml:"split_ratio"`
	AssignmentTTL time.Duration `yaml:"assignment_ttl"`
	EventTTL      time.Duration `yaml:"event_ttl"`
	Seed          int64         `yaml:"seed"`
}

// Ratio returns the configured split ratio, 0.5 when unset
func (c ExperimentConfig) Ratio() float64 {
	if c.SplitRatio == nil {
		return 0.5
	}
	return *c.SplitRatio
}

type StorageConfig struct {
	// Backend is one of memory, redis, badger, postgres, file
	Backend   string         `yaml:"backend"`
	Timeout   time.Duration  `yaml:"timeout"`
	KeyPrefix string         `yaml:"key_prefix"`
	Redis     RedisConfig    `yaml:"redis"`
	Badger    BadgerConfig   `yaml:"badger"`
	Postgres  PostgresConfig `yaml:"postgres"`
	File      FileConfig     `yaml:"file"`
}

type RedisConfig struct {
	Addr         string        `yaml:"addr"`
	Password     string        `yaml:"password"`
	DB           int           `yaml:"db"`
	DialTimeout  time.Duration `yaml:"dial_timeout"`
	ReadTimeout  time.Duration `yaml:"read_timeout"`
	WriteTimeout time.Duration `yaml:"write_timeout"`
	PoolSize     int           `yaml:"pool_size"`
}

type BadgerConfig struct {
	Path       string        `yaml:"path"`
	InMemory   bool          `yaml:"in_memory"`
	SyncWrites bool          `yaml:"sync_writes"`
	GCInterval time.Duration `yaml:"gc_interval"`
}

type PostgresConfig struct {
	DSN      string `yaml:"dsn"`
	MaxConns int32  `yaml:"max_conns"`
}

type FileConfig struct {
	Path string `yaml:"path"`
}

type AuditConfig struct {
	// Path is the always-on JSONL audit log
	Path       string           `yaml:"path"`
	Kafka      KafkaConfig      `yaml:"kafka"`
	ClickHouse ClickHouseConfig `yaml:"clickhouse"`
}

type KafkaConfig struct {
	Brokers       []string `yaml:"brokers"`
	Topic         string   `yaml:"topic"`
	ConsumerGroup string   `yaml:"consumer_group"`
}

type ClickHouseConfig struct {
	Addr          string        `yaml:"addr"`
	Database      string        `yaml:"database"`
	Username      string        `yaml:"username"`
	Password      string        `yaml:"password"`
	MaxOpenConns  int           `yaml:"max_open_conns"`
	MaxIdleConns  int           `yaml:"max_idle_conns"`
	BatchSize     int           `yaml:"batch_size"`
	FlushInterval time.Duration `yaml:"flush_interval"`
}

type BufferConfig struct {
	Size          int           `yaml:"size"`
	FlushInterval time.Duration `yaml:"flush_interval"`
}

type ServerConfig struct {
	HTTPPort        int    `yaml:"http_port"`
	UserIDHeader    string `yaml:"user_id_header"`
	SessionIDHeader string `yaml:"session_id_header"`
}

type GeoIPConfig struct {
	DatabasePath string `yaml:"database_path"`
}

type RankingConfig struct {
	VectorWeight   *float64 `yaml:"vector_weight"`
	ColorWeight    *float64 `yaml:"color_weight"`
	CategoryWeight *float64 `yaml:"category_weight"`
	TextWeight     *float64 `yaml:"text_weight"`
}

func Load(path string) (*Config, error) {
	// .env is optional
	_ = godotenv.Load()

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	// Expand environment variables
	expanded := os.ExpandEnv(string(data))

	var cfg Config
	if err := yaml.Unmarshal([]byte(expanded), &cfg); err != nil {
		return nil, err
	}

	cfg.applyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return &cfg, nil
}

// Default returns the configuration used when no file is given
func Default() *Config {
	var cfg Config
	cfg.applyDefaults()
	return &cfg
}

// Validate rejects settings the engine cannot run with
func (c *Config) Validate() error {
	if r := c.Experiment.Ratio(); r < 0 || r > 1 {
		return errors.New("experiment.split_ratio must be within [0,1]")
	}
	if len(c.Experiment.Variants) != 2 {
		return errors.New("experiment.variants must name exactly two variants")
	}
	switch c.Storage.Backend {
	case "memory", "redis", "badger", "postgres", "file":
	default:
		return errors.New("storage.backend must be one of memory, redis, badger, postgres, file")
	}
	return nil
}

func (c *Config) applyDefaults() {
	if len(c.Experiment.Variants) == 0 {
		c.Experiment.Variants = []string{"search_v1", "search_v2"}
	}
	if c.Experiment.AssignmentTTL == 0 {
		c.Experiment.AssignmentTTL = 30 * 24 * time.Hour
	}
	if c.Experiment.EventTTL == 0 {
		c.Experiment.EventTTL = 30 * 24 * time.Hour
	}

	if c.Storage.Backend == "" {
		c.Storage.Backend = "memory"
	}
	if c.Storage.Timeout == 0 {
		c.Storage.Timeout = 2 * time.Second
	}
	if c.Storage.KeyPrefix == "" {
		c.Storage.KeyPrefix = "ab:"
	}
	if c.Storage.Redis.Addr == "" {
		c.Storage.Redis.Addr = "localhost:6379"
	}
	if c.Storage.Redis.DialTimeout == 0 {
		c.Storage.Redis.DialTimeout = 5 * time.Second
	}
	if c.Storage.Redis.ReadTimeout == 0 {
		c.Storage.Redis.ReadTimeout = 3 * time.Second
	}
	if c.Storage.Redis.WriteTimeout == 0 {
		c.Storage.Redis.WriteTimeout = 3 * time.Second
	}
	if c.Storage.Redis.PoolSize == 0 {
		c.Storage.Redis.PoolSize = 10
	}
	if c.Storage.Badger.Path == "" {
		c.Storage.Badger.Path = "data/badger"
	}
	if c.Storage.Badger.GCInterval == 0 {
		c.Storage.Badger.GCInterval = 5 * time.Minute
	}
	if c.Storage.Postgres.MaxConns == 0 {
		c.Storage.Postgres.MaxConns = 10
	}
	if c.Storage.File.Path == "" {
		c.Storage.File.Path = "data/ab_store.jsonl"
	}

	if c.Audit.Path == "" {
		c.Audit.Path = "ab_events.jsonl"
	}
	if c.Audit.Kafka.Topic == "" {
		c.Audit.Kafka.Topic = "abengine.events.audit"
	}
	if c.Audit.Kafka.ConsumerGroup == "" {
		c.Audit.Kafka.ConsumerGroup = "abengine-replay"
	}
	if c.Audit.ClickHouse.MaxOpenConns == 0 {
		c.Audit.ClickHouse.MaxOpenConns = 10
	}
	if c.Audit.ClickHouse.MaxIdleConns == 0 {
		c.Audit.ClickHouse.MaxIdleConns = 5
	}
	if c.Audit.ClickHouse.BatchSize == 0 {
		c.Audit.ClickHouse.BatchSize = 1000
	}
	if c.Audit.ClickHouse.FlushInterval == 0 {
		c.Audit.ClickHouse.FlushInterval = 5 * time.Second
	}

	if c.Buffer.Size == 0 {
		c.Buffer.Size = 10000
	}
	if c.Buffer.FlushInterval == 0 {
		c.Buffer.FlushInterval = 5 * time.Second
	}

	if c.Server.HTTPPort == 0 {
		c.Server.HTTPPort = 8080
	}
	if c.Server.UserIDHeader == "" {
		c.Server.UserIDHeader = "X-User-ID"
	}
	if c.Server.SessionIDHeader == "" {
		c.Server.SessionIDHeader = "X-Session-ID"
	}
}

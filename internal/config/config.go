package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// Config holds the application configuration
type Config struct {
	Server   ServerConfig   `yaml:"server"`
	Database DatabaseConfig `yaml:"database"`
	Log      LogConfig      `yaml:"log"`
	NATS     NATSConfig     `yaml:"nats"`
	Redis    RedisConfig    `yaml:"redis"`
}

// ServerConfig holds HTTP and WebSocket settings
type ServerConfig struct {
	Host            string        `yaml:"host"`
	Port            int           `yaml:"port"`
	HTMLPath        string        `yaml:"html_path"`
	PublicURL       string        `yaml:"public_url"`
	PingInterval    time.Duration `yaml:"ping_interval"`
	PongTimeout     time.Duration `yaml:"pong_timeout"`
	MaxMessageBytes int64         `yaml:"max_message_bytes"`
	SendBuffer      int           `yaml:"send_buffer"`
}

// DatabaseConfig holds SQLite settings. An empty path disables persistence.
type DatabaseConfig struct {
	Path           string        `yaml:"path"`
	WriteTimeout   time.Duration `yaml:"write_timeout"`
	EventRetention time.Duration `yaml:"event_retention"`
	PruneInterval  time.Duration `yaml:"prune_interval"`
}

// LogConfig holds the NDJSON audit log and snapshot file settings
type LogConfig struct {
	Path            string        `yaml:"path"`
	LatestPath      string        `yaml:"latest_path"`
	MaxBytes        int64         `yaml:"max_bytes"`
	Follow          bool          `yaml:"follow"`
	SummaryInterval time.Duration `yaml:"summary_interval"`
}

// NATSConfig enables publishing lifecycle messages. Embedded starts a
// local server and ignores URL.
type NATSConfig struct {
	URL           string `yaml:"url"`
	SubjectPrefix string `yaml:"subject_prefix"`
	Embedded      bool   `yaml:"embedded"`
	EmbeddedPort  int    `yaml:"embedded_port"`
}

// RedisConfig enables mirroring latest payloads
type RedisConfig struct {
	URL       string `yaml:"url"`
	KeyPrefix string `yaml:"key_prefix"`
}

// Default returns the configuration used when no file is given
func Default() *Config {
	cfg := &Config{}
	cfg.applyDefaults()
	return cfg
}

// Load reads configuration from a YAML file, then applies IMUHUB_*
// environment overrides. An empty path yields defaults plus environment.
func Load(path string) (*Config, error) {
	var cfg Config
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("reading config file: %w", err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return nil, fmt.Errorf("parsing config file: %w", err)
		}
	}

	if err := cfg.applyEnv(); err != nil {
		return nil, err
	}
	cfg.applyDefaults()
	return &cfg, nil
}

// LoadDotEnv loads .env files into the environment without overriding
// variables that are already set. Missing files are ignored.
func LoadDotEnv(files ...string) error {
	if len(files) == 0 {
		files = []string{".env"}
	}
	for _, f := range files {
		if err := godotenv.Load(f); err != nil && !errors.Is(err, os.ErrNotExist) {
			return fmt.Errorf("loading %s: %w", f, err)
		}
	}
	return nil
}

func (cfg *Config) applyDefaults() {
	if cfg.Server.Host == "" {
		cfg.Server.Host = "0.0.0.0"
	}
	if cfg.Server.Port == 0 {
		cfg.Server.Port = 8080
	}
	if cfg.Server.HTMLPath == "" {
		cfg.Server.HTMLPath = "sensor.html"
	}
	if cfg.Server.PingInterval == 0 {
		cfg.Server.PingInterval = 20 * time.Second
	}
	if cfg.Server.PongTimeout == 0 {
		cfg.Server.PongTimeout = 20 * time.Second
	}
	if cfg.Server.MaxMessageBytes == 0 {
		cfg.Server.MaxMessageBytes = 1 << 20
	}
	if cfg.Server.SendBuffer == 0 {
		cfg.Server.SendBuffer = 256
	}

	if cfg.Database.WriteTimeout == 0 {
		cfg.Database.WriteTimeout = 2 * time.Second
	}
	if cfg.Database.PruneInterval == 0 {
		cfg.Database.PruneInterval = time.Hour
	}
	// EventRetention intentionally defaults to 0: keep events forever

	if cfg.Log.Path == "" {
		cfg.Log.Path = "gyro_log.ndjson"
	}
	if cfg.Log.LatestPath == "" {
		cfg.Log.LatestPath = "latest.json"
	}
	if cfg.Log.SummaryInterval == 0 {
		cfg.Log.SummaryInterval = 5 * time.Minute
	}

	if cfg.NATS.SubjectPrefix == "" {
		cfg.NATS.SubjectPrefix = "imuhub"
	}
	if cfg.NATS.EmbeddedPort == 0 {
		cfg.NATS.EmbeddedPort = 4222
	}
	if cfg.Redis.KeyPrefix == "" {
		cfg.Redis.KeyPrefix = "imuhub"
	}
}

func (cfg *Config) applyEnv() error {
	strs := map[string]*string{
		"IMUHUB_HOST":       &cfg.Server.Host,
		"IMUHUB_HTML":       &cfg.Server.HTMLPath,
		"IMUHUB_PUBLIC_URL": &cfg.Server.PublicURL,
		"IMUHUB_DB":         &cfg.Database.Path,
		"IMUHUB_LOG":        &cfg.Log.Path,
		"IMUHUB_LATEST":     &cfg.Log.LatestPath,
		"IMUHUB_NATS_URL":   &cfg.NATS.URL,
		"IMUHUB_REDIS_URL":  &cfg.Redis.URL,
	}
	for key, dst := range strs {
		if v, ok := os.LookupEnv(key); ok {
			*dst = v
		}
	}
	if v, ok := os.LookupEnv("IMUHUB_PORT"); ok {
		port, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("IMUHUB_PORT: %w", err)
		}
		cfg.Server.Port = port
	}
	return nil
}

// Addr returns host:port for the listener
func (cfg *Config) Addr() string {
	return fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port)
}

// Validate rejects settings the server cannot run with
func (cfg *Config) Validate() error {
	if cfg.Server.Port < 1 || cfg.Server.Port > 65535 {
		return fmt.Errorf("server.port %d out of range", cfg.Server.Port)
	}
	if cfg.Server.PingInterval <= 0 {
		return fmt.Errorf("server.ping_interval must be positive")
	}
	if cfg.Server.PongTimeout < time.Second {
		return fmt.Errorf("server.pong_timeout must be at least 1s, got %s", cfg.Server.PongTimeout)
	}
	if cfg.Server.MaxMessageBytes <= 0 {
		return fmt.Errorf("server.max_message_bytes must be positive")
	}
	if cfg.Database.EventRetention < 0 {
		return fmt.Errorf("database.event_retention cannot be negative")
	}
	return nil
}

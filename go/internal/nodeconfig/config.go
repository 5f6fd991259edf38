// Package nodeconfig loads the settings of one scoresync node from a YAML
// file, a .env file and SCORESYNC_* environment variables.
package nodeconfig

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/joho/godotenv"
	"github.com/nats-io/nats.go"
	"github.com/rs/zerolog"
	"gopkg.in/yaml.v3"

	"github.com/mcdev12/scoresync/go/internal/datalayer/natslayer"
)

// Record backends
const (
	BackendNATS     = "nats"
	BackendPostgres = "postgres"
)

type Config struct {
	Node struct {
		ID          string `yaml:"id"`
		DisplayName string `yaml:"display_name"`
	} `yaml:"node"`

	NATS struct {
		URL               string        `yaml:"url"`
		SubjectPrefix     string        `yaml:"subject_prefix"`
		PresenceBucket    string        `yaml:"presence_bucket"`
		PresenceTTL       time.Duration `yaml:"presence_ttl"`
		HeartbeatInterval time.Duration `yaml:"heartbeat_interval"`
		EventsStream      string        `yaml:"events_stream"`
	} `yaml:"nats"`

	Records struct {
		Backend string `yaml:"backend"`
		Bucket  string `yaml:"bucket"`
	} `yaml:"records"`

	Sync struct {
		BootstrapTimeout time.Duration `yaml:"bootstrap_timeout"`
		SendTimeout      time.Duration `yaml:"send_timeout"`
		PublishTimeout   time.Duration `yaml:"publish_timeout"`
	} `yaml:"sync"`

	Gateway struct {
		Port int `yaml:"port"`
	} `yaml:"gateway"`

	LogLevel string `yaml:"log_level"`
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvAsInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intValue, err := strconv.Atoi(value); err == nil {
			return intValue
		}
	}
	return defaultValue
}

func getEnvAsDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if d, err := time.ParseDuration(value); err == nil {
			return d
		}
	}
	return defaultValue
}

// Load builds the node config. An empty path or a missing file means
// environment and defaults only.
func Load(path string) (*Config, error) {
	// .env is optional
	_ = godotenv.Load()

	var config Config
	if path != "" {
		data, err := os.ReadFile(path)
		switch {
		case errors.Is(err, os.ErrNotExist):
		case err != nil:
			return nil, fmt.Errorf("failed to read config file: %w", err)
		default:
			if err := yaml.Unmarshal(data, &config); err != nil {
				return nil, fmt.Errorf("failed to parse config: %w", err)
			}
		}
	}

	config.applyEnv()
	config.applyDefaults()

	if err := config.Validate(); err != nil {
		return nil, err
	}
	return &config, nil
}

func (c *Config) applyEnv() {
	c.Node.ID = getEnv("SCORESYNC_NODE_ID", c.Node.ID)
	c.Node.DisplayName = getEnv("SCORESYNC_DISPLAY_NAME", c.Node.DisplayName)
	c.NATS.URL = getEnv("SCORESYNC_NATS_URL", c.NATS.URL)
	c.NATS.SubjectPrefix = getEnv("SCORESYNC_SUBJECT_PREFIX", c.NATS.SubjectPrefix)
	c.Records.Backend = getEnv("SCORESYNC_RECORDS_BACKEND", c.Records.Backend)
	c.Records.Bucket = getEnv("SCORESYNC_RECORDS_BUCKET", c.Records.Bucket)
	c.Sync.BootstrapTimeout = getEnvAsDuration("SCORESYNC_BOOTSTRAP_TIMEOUT", c.Sync.BootstrapTimeout)
	c.Sync.SendTimeout = getEnvAsDuration("SCORESYNC_SEND_TIMEOUT", c.Sync.SendTimeout)
	c.Gateway.Port = getEnvAsInt("SCORESYNC_GATEWAY_PORT", c.Gateway.Port)
	c.LogLevel = getEnv("SCORESYNC_LOG_LEVEL", c.LogLevel)
}

func (c *Config) applyDefaults() {
	nc := natslayer.DefaultConfig()

	if c.Node.ID == "" {
		c.Node.ID = uuid.New().String()
	}
	if c.Node.DisplayName == "" {
		if host, err := os.Hostname(); err == nil {
			c.Node.DisplayName = host
		} else {
			c.Node.DisplayName = c.Node.ID
		}
	}
	if c.NATS.URL == "" {
		c.NATS.URL = nats.DefaultURL
	}
	if c.NATS.SubjectPrefix == "" {
		c.NATS.SubjectPrefix = nc.SubjectPrefix
	}
	if c.NATS.PresenceBucket == "" {
		c.NATS.PresenceBucket = nc.PresenceBucket
	}
	if c.NATS.PresenceTTL == 0 {
		c.NATS.PresenceTTL = nc.PresenceTTL
	}
	if c.NATS.HeartbeatInterval == 0 {
		c.NATS.HeartbeatInterval = nc.HeartbeatInterval
	}
	if c.NATS.EventsStream == "" {
		c.NATS.EventsStream = nc.EventsStream
	}
	if c.Records.Backend == "" {
		c.Records.Backend = BackendNATS
	}
	if c.Records.Bucket == "" {
		c.Records.Bucket = nc.RecordsBucket
	}
	if c.Sync.BootstrapTimeout == 0 {
		c.Sync.BootstrapTimeout = 3000 * time.Millisecond
	}
	if c.Sync.SendTimeout == 0 {
		c.Sync.SendTimeout = 2 * time.Second
	}
	if c.Sync.PublishTimeout == 0 {
		c.Sync.PublishTimeout = 2 * time.Second
	}
	if c.Gateway.Port == 0 {
		c.Gateway.Port = 8080
	}
	if c.LogLevel == "" {
		c.LogLevel = "info"
	}
}

// Validate checks values that defaults cannot repair
func (c *Config) Validate() error {
	switch c.Records.Backend {
	case BackendNATS, BackendPostgres:
	default:
		return fmt.Errorf("unknown records backend %q", c.Records.Backend)
	}
	if c.Sync.BootstrapTimeout < 0 || c.Sync.SendTimeout < 0 || c.Sync.PublishTimeout < 0 {
		return errors.New("sync timeouts must not be negative")
	}
	if c.Gateway.Port < 0 || c.Gateway.Port > 65535 {
		return fmt.Errorf("invalid gateway port %d", c.Gateway.Port)
	}
	if _, err := zerolog.ParseLevel(strings.ToLower(c.LogLevel)); err != nil {
		return fmt.Errorf("invalid log level: %w", err)
	}
	return c.NATSConfig().Validate()
}

// NATSConfig returns the NATS data layer settings
func (c *Config) NATSConfig() natslayer.Config {
	nc := natslayer.DefaultConfig()
	nc.URL = c.NATS.URL
	nc.SubjectPrefix = c.NATS.SubjectPrefix
	nc.RecordsBucket = c.Records.Bucket
	nc.PresenceBucket = c.NATS.PresenceBucket
	nc.PresenceTTL = c.NATS.PresenceTTL
	nc.HeartbeatInterval = c.NATS.HeartbeatInterval
	nc.EventsStream = c.NATS.EventsStream
	return nc
}

// Level returns the configured zerolog level, info when unparseable
func (c *Config) Level() zerolog.Level {
	level, err := zerolog.ParseLevel(strings.ToLower(c.LogLevel))
	if err != nil || level == zerolog.NoLevel {
		return zerolog.InfoLevel
	}
	return level
}

// Addr is the gateway listen address
func (c *Config) Addr() string {
	return fmt.Sprintf(":%d", c.Gateway.Port)
}

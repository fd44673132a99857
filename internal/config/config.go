// Package config loads the layer's settings from a YAML file, a .env file and
// ACE_* environment variables, in increasing order of precedence.
package config

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v2"

	"github.com/ace/aspirant/internal/oracle"
)

type Config struct {
	Layer      LayerConfig      `yaml:"layer"`
	Bus        BusConfig        `yaml:"bus"`
	Oracle     OracleConfig     `yaml:"oracle"`
	Resilience ResilienceConfig `yaml:"resilience"`
	Mission    MissionConfig    `yaml:"mission"`
	Ledger     LedgerConfig     `yaml:"ledger"`
	Admin      AdminConfig      `yaml:"admin"`
}

type LayerConfig struct {
	Name            string `yaml:"name"`
	ProcessMessages bool   `yaml:"process_messages"`
	MailboxSize     int    `yaml:"mailbox_size"`
	LogLevel        string `yaml:"log_level"`

	// DeferDelay is how long a paused layer holds a message before handing it back.
	DeferDelay time.Duration `yaml:"defer_delay"`
}

type BusConfig struct {
	Backend         string       `yaml:"backend"` // local, redis, pubsub
	ControlSubQueue string       `yaml:"control_sub_queue"`
	DataSubQueue    string       `yaml:"data_sub_queue"`
	ControlPubQueue string       `yaml:"control_pub_queue"`
	DataPubQueue    string       `yaml:"data_pub_queue"`
	DeadLetterQueue string       `yaml:"dead_letter_queue"`
	Redis           RedisConfig  `yaml:"redis"`
	PubSub          PubSubConfig `yaml:"pubsub"`
}

type RedisConfig struct {
	Addr      string `yaml:"addr"`
	Password  string `yaml:"password"`
	DB        int    `yaml:"db"`
	KeyPrefix string `yaml:"key_prefix"`
}

type PubSubConfig struct {
	ProjectID      string `yaml:"project_id"`
	MaxOutstanding int    `yaml:"max_outstanding"`
	CreateTopics   bool   `yaml:"create_topics"`
}

type OracleConfig struct {
	Backend           string        `yaml:"backend"` // genai, scripted
	Model             string        `yaml:"model"`
	APIKey            string        `yaml:"api_key"`
	Project           string        `yaml:"project"`
	Location          string        `yaml:"location"`
	SystemInstruction string        `yaml:"system_instruction"`
	Default           string        `yaml:"default_reply"`
	Rules             []oracle.Rule `yaml:"rules"`
}

type ResilienceConfig struct {
	OracleTimeout      time.Duration `yaml:"oracle_timeout"`
	OracleRetries      uint64        `yaml:"oracle_retries"`
	OracleBackoff      time.Duration `yaml:"oracle_backoff"`
	BreakerFailures    uint32        `yaml:"breaker_failures"`
	BreakerOpenTimeout time.Duration `yaml:"breaker_open_timeout"`
	PublishRetries     uint64        `yaml:"publish_retries"`
	PublishBackoff     time.Duration `yaml:"publish_backoff"`
}

type MissionConfig struct {
	Backend string `yaml:"backend"` // memory, redis
}

type LedgerConfig struct {
	Backend  string `yaml:"backend"` // none, memory, postgres
	DSN      string `yaml:"dsn"`
	Capacity int    `yaml:"capacity"`
}

type AdminConfig struct {
	Enabled bool   `yaml:"enabled"`
	Addr    string `yaml:"addr"`
}

// Default returns the settings of a single-process aspirational layer.
func Default() *Config {
	return &Config{
		Layer: LayerConfig{
			Name:            "aspirational",
			ProcessMessages: true,
			MailboxSize:     64,
			LogLevel:        "info",
			DeferDelay:      time.Second,
		},
		Bus: BusConfig{
			Backend:         "local",
			ControlSubQueue: "control_bus.layer_1",
			DataSubQueue:    "data_bus.layer_1",
			ControlPubQueue: "control_bus.layer_2",
			DataPubQueue:    "data_bus.layer_0",
			DeadLetterQueue: "dead_letter.layer_1",
			Redis:           RedisConfig{Addr: "localhost:6379", KeyPrefix: "ace:"},
			PubSub:          PubSubConfig{MaxOutstanding: 32},
		},
		Oracle: OracleConfig{
			Backend: "genai",
			Model:   "gemini-2.5-flash",
			Default: "[Judgement]\ndeny\n\n[Reasoning]\nNo scripted rule matched.",
		},
		Resilience: ResilienceConfig{
			OracleTimeout:      60 * time.Second,
			OracleRetries:      3,
			OracleBackoff:      500 * time.Millisecond,
			BreakerFailures:    5,
			BreakerOpenTimeout: 30 * time.Second,
			PublishRetries:     3,
			PublishBackoff:     200 * time.Millisecond,
		},
		Mission: MissionConfig{Backend: "memory"},
		Ledger:  LedgerConfig{Backend: "memory", Capacity: 1000},
		Admin:   AdminConfig{Enabled: true, Addr: ":8080"},
	}
}

// LoadDotEnv loads a .env file into the process environment. A missing file
// is not an error; variables already set are not overwritten.
func LoadDotEnv(path string) error {
	if path == "" {
		path = ".env"
	}
	if _, err := os.Stat(path); errors.Is(err, os.ErrNotExist) {
		return nil
	}
	if err := godotenv.Load(path); err != nil {
		return fmt.Errorf("load %s: %w", path, err)
	}
	slog.Info("[Config] Loaded environment file", "path", path)
	return nil
}

// Load applies the YAML file at path (if any) and ACE_* overrides on top of
// Default, then validates the result.
func Load(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read config: %w", err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse config %s: %w", path, err)
		}
	}

	if err := cfg.applyEnv(); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// ============================================================================
// ENVIRONMENT OVERRIDES
// ============================================================================

func (c *Config) applyEnv() error {
	setString(&c.Layer.Name, "ACE_LAYER_NAME")
	setString(&c.Layer.LogLevel, "ACE_LOG_LEVEL")

	setString(&c.Bus.Backend, "ACE_BUS_BACKEND")
	setString(&c.Bus.ControlSubQueue, "ACE_CONTROL_SUB_QUEUE")
	setString(&c.Bus.DataSubQueue, "ACE_DATA_SUB_QUEUE")
	setString(&c.Bus.ControlPubQueue, "ACE_CONTROL_PUB_QUEUE")
	setString(&c.Bus.DataPubQueue, "ACE_DATA_PUB_QUEUE")
	setString(&c.Bus.DeadLetterQueue, "ACE_DEAD_LETTER_QUEUE")
	setString(&c.Bus.Redis.Addr, "ACE_REDIS_ADDR")
	setString(&c.Bus.Redis.Password, "ACE_REDIS_PASSWORD")
	setString(&c.Bus.PubSub.ProjectID, "ACE_PUBSUB_PROJECT", "GOOGLE_CLOUD_PROJECT")

	setString(&c.Oracle.Backend, "ACE_ORACLE_BACKEND")
	setString(&c.Oracle.Model, "ACE_ORACLE_MODEL")
	setString(&c.Oracle.APIKey, "ACE_ORACLE_API_KEY", "GEMINI_API_KEY", "GOOGLE_API_KEY")
	setString(&c.Oracle.Project, "ACE_ORACLE_PROJECT")
	setString(&c.Oracle.Location, "ACE_ORACLE_LOCATION")

	setString(&c.Mission.Backend, "ACE_MISSION_BACKEND")
	setString(&c.Ledger.Backend, "ACE_LEDGER_BACKEND")
	setString(&c.Ledger.DSN, "ACE_LEDGER_DSN", "DATABASE_URL")
	setString(&c.Admin.Addr, "ACE_ADMIN_ADDR")

	var errs []error
	errs = append(errs,
		setBool(&c.Layer.ProcessMessages, "ACE_PROCESS_MESSAGES"),
		setBool(&c.Admin.Enabled, "ACE_ADMIN_ENABLED"),
		setInt(&c.Bus.Redis.DB, "ACE_REDIS_DB"),
		setDuration(&c.Resilience.OracleTimeout, "ACE_ORACLE_TIMEOUT"),
		setDuration(&c.Layer.DeferDelay, "ACE_DEFER_DELAY"),
	)
	return errors.Join(errs...)
}

// setString takes the first non-empty variable among keys.
func setString(dst *string, keys ...string) {
	for _, k := range keys {
		if v := os.Getenv(k); v != "" {
			*dst = v
			return
		}
	}
}

func setBool(dst *bool, key string) error {
	v := os.Getenv(key)
	if v == "" {
		return nil
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return fmt.Errorf("%s: %w", key, err)
	}
	*dst = b
	return nil
}

func setInt(dst *int, key string) error {
	v := os.Getenv(key)
	if v == "" {
		return nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return fmt.Errorf("%s: %w", key, err)
	}
	*dst = n
	return nil
}

func setDuration(dst *time.Duration, key string) error {
	v := os.Getenv(key)
	if v == "" {
		return nil
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return fmt.Errorf("%s: %w", key, err)
	}
	*dst = d
	return nil
}

// ============================================================================
// VALIDATION
// ============================================================================

// Validate reports every problem found, joined.
func (c *Config) Validate() error {
	var errs []error
	check := func(ok bool, format string, args ...interface{}) {
		if !ok {
			errs = append(errs, fmt.Errorf(format, args...))
		}
	}

	check(c.Layer.Name != "", "layer.name is required")
	check(c.Bus.ControlSubQueue != "", "bus.control_sub_queue is required")
	check(c.Bus.DataSubQueue != "", "bus.data_sub_queue is required")
	check(c.Bus.ControlPubQueue != "", "bus.control_pub_queue is required")
	check(c.Bus.DataPubQueue != "", "bus.data_pub_queue is required")

	// A layer consuming its own output would route every message forever.
	subs := map[string]bool{c.Bus.ControlSubQueue: true, c.Bus.DataSubQueue: true}
	check(!subs[c.Bus.ControlPubQueue] && !subs[c.Bus.DataPubQueue] && !subs[c.Bus.DeadLetterQueue],
		"publish queues must differ from subscription queues")

	switch c.Bus.Backend {
	case "local":
	case "redis":
		check(c.Bus.Redis.Addr != "", "bus.redis.addr is required for the redis backend")
	case "pubsub":
		check(c.Bus.PubSub.ProjectID != "", "bus.pubsub.project_id is required for the pubsub backend")
	default:
		check(false, "unknown bus backend %q", c.Bus.Backend)
	}

	switch c.Oracle.Backend {
	case "genai":
		check(c.Oracle.APIKey != "" || c.Oracle.Project != "",
			"oracle.api_key or oracle.project is required for the genai backend")
	case "scripted":
	default:
		check(false, "unknown oracle backend %q", c.Oracle.Backend)
	}

	switch c.Mission.Backend {
	case "memory":
	case "redis":
		check(c.Bus.Redis.Addr != "", "bus.redis.addr is required for the redis mission store")
	default:
		check(false, "unknown mission backend %q", c.Mission.Backend)
	}

	switch c.Ledger.Backend {
	case "none", "memory":
	case "postgres":
		check(c.Ledger.DSN != "", "ledger.dsn is required for the postgres ledger")
	default:
		check(false, "unknown ledger backend %q", c.Ledger.Backend)
	}

	check(c.Resilience.OracleTimeout > 0, "resilience.oracle_timeout must be positive")

	if len(errs) > 0 {
		return fmt.Errorf("invalid config: %w", errors.Join(errs...))
	}
	return nil
}

// SlogLevel maps Layer.LogLevel to a slog level, defaulting to info.
func (c *Config) SlogLevel() slog.Level {
	switch strings.ToLower(c.Layer.LogLevel) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

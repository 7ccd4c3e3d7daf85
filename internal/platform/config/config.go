// Package config loads service configuration from a YAML file, expands
// ${VAR} references, applies ORACLE_* environment overrides and validates
// the result.
package config

import (
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/caarlos0/env/v11"
	validation "github.com/go-ozzo/ozzo-validation/v4"
	"github.com/go-ozzo/ozzo-validation/v4/is"
	"gopkg.in/yaml.v3"
)

// History backends.
const (
	BackendMemory   = "memory"
	BackendBolt     = "bbolt"
	BackendPostgres = "postgres"
)

// Locker kinds.
const (
	LockerMemory = "memory"
	LockerRedis  = "redis"
)

type Config struct {
	Server      Server      `yaml:"server"`
	Sources     []Source    `yaml:"sources"`
	Consensus   Consensus   `yaml:"consensus"`
	Encumbrance Encumbrance `yaml:"encumbrance"`
	Evidence    Evidence    `yaml:"evidence"`
	History     History     `yaml:"history"`
	Redis       RedisConfig `yaml:"redis"`
	Kafka       Kafka       `yaml:"kafka"`
	Log         Log         `yaml:"log"`
}

// Server captures the ops HTTP listener.
type Server struct {
	Addr            string        `yaml:"addr" env:"ORACLE_SERVER_ADDR"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout" env:"ORACLE_SERVER_SHUTDOWN_TIMEOUT"`
}

// Source is one HTTP chain indexer. PublicKey is the base64 Ed25519 key its
// attestations are signed with; sources without one vote unverified.
type Source struct {
	ID        string `yaml:"id"`
	Chain     string `yaml:"chain"`
	URL       string `yaml:"url"`
	APIKey    string `yaml:"api_key"`
	PublicKey string `yaml:"public_key"`
}

func (s *Source) Validate() error {
	return validation.ValidateStruct(s,
		validation.Field(&s.ID, validation.Required),
		validation.Field(&s.Chain, validation.Required),
		validation.Field(&s.URL, validation.Required, is.URL),
		validation.Field(&s.PublicKey, is.Base64),
	)
}

// Consensus tunes source aggregation.
type Consensus struct {
	QuorumThreshold float64       `yaml:"quorum_threshold" env:"ORACLE_CONSENSUS_QUORUM_THRESHOLD"`
	SourceTimeout   time.Duration `yaml:"source_timeout" env:"ORACLE_CONSENSUS_SOURCE_TIMEOUT"`
	MinResponders   int           `yaml:"min_responders" env:"ORACLE_CONSENSUS_MIN_RESPONDERS"`
	TieBand         float64       `yaml:"tie_band" env:"ORACLE_CONSENSUS_TIE_BAND"`
	MaxParallel     int           `yaml:"max_parallel" env:"ORACLE_CONSENSUS_MAX_PARALLEL"`
	// BreakerFailures consecutive failures open a source's breaker for
	// BreakerCooldown.
	BreakerFailures int           `yaml:"breaker_failures" env:"ORACLE_CONSENSUS_BREAKER_FAILURES"`
	BreakerCooldown time.Duration `yaml:"breaker_cooldown" env:"ORACLE_CONSENSUS_BREAKER_COOLDOWN"`
	// ClaimEpsilon is how many consensus points apart dispute claims still tie.
	ClaimEpsilon float64 `yaml:"claim_epsilon" env:"ORACLE_CONSENSUS_CLAIM_EPSILON"`
}

type Encumbrance struct {
	MaturityInterval time.Duration `yaml:"maturity_interval" env:"ORACLE_ENCUMBRANCE_MATURITY_INTERVAL"`
	Locker           string        `yaml:"locker" env:"ORACLE_ENCUMBRANCE_LOCKER"`
	LeaseTTL         time.Duration `yaml:"lease_ttl" env:"ORACLE_ENCUMBRANCE_LEASE_TTL"`
}

// Evidence holds the sealing keys. Keys maps key ID to secret.
type Evidence struct {
	ActiveKey           string            `yaml:"active_key" env:"ORACLE_EVIDENCE_ACTIVE_KEY"`
	Keys                map[string]string `yaml:"keys" env:"ORACLE_EVIDENCE_KEYS"`
	SnapshotParallelism int               `yaml:"snapshot_parallelism" env:"ORACLE_EVIDENCE_SNAPSHOT_PARALLELISM"`
}

type History struct {
	Backend     string `yaml:"backend" env:"ORACLE_HISTORY_BACKEND"`
	BoltPath    string `yaml:"bolt_path" env:"ORACLE_HISTORY_BOLT_PATH"`
	PostgresDSN string `yaml:"postgres_dsn" env:"ORACLE_HISTORY_POSTGRES_DSN"`
}

// RedisConfig is optional; an empty URL disables Redis.
type RedisConfig struct {
	URL          string        `yaml:"url" env:"ORACLE_REDIS_URL"`
	PoolSize     int           `yaml:"pool_size" env:"ORACLE_REDIS_POOL_SIZE"`
	MinIdleConns int           `yaml:"min_idle_conns" env:"ORACLE_REDIS_MIN_IDLE_CONNS"`
	DialTimeout  time.Duration `yaml:"dial_timeout" env:"ORACLE_REDIS_DIAL_TIMEOUT"`
	ReadTimeout  time.Duration `yaml:"read_timeout" env:"ORACLE_REDIS_READ_TIMEOUT"`
	WriteTimeout time.Duration `yaml:"write_timeout" env:"ORACLE_REDIS_WRITE_TIMEOUT"`
}

// Kafka is optional; no brokers disables the event feed.
type Kafka struct {
	Brokers        []string `yaml:"brokers" env:"ORACLE_KAFKA_BROKERS"`
	ClientID       string   `yaml:"client_id" env:"ORACLE_KAFKA_CLIENT_ID"`
	EventsTopic    string   `yaml:"events_topic" env:"ORACLE_KAFKA_EVENTS_TOPIC"`
	TransfersTopic string   `yaml:"transfers_topic" env:"ORACLE_KAFKA_TRANSFERS_TOPIC"`
	ConsumerGroup  string   `yaml:"consumer_group" env:"ORACLE_KAFKA_CONSUMER_GROUP"`
}

func (k Kafka) Enabled() bool {
	return len(k.Brokers) > 0
}

type Log struct {
	Level  string `yaml:"level" env:"ORACLE_LOG_LEVEL"`
	Format string `yaml:"format" env:"ORACLE_LOG_FORMAT"`
}

// Default returns a configuration that runs entirely in memory.
func Default() *Config {
	return &Config{
		Server: Server{
			Addr:            ":8080",
			ShutdownTimeout: 10 * time.Second,
		},
		Consensus: Consensus{
			QuorumThreshold: 80,
			SourceTimeout:   2 * time.Second,
			MinResponders:   1,
			TieBand:         5,
			MaxParallel:     16,
			BreakerFailures: 5,
			BreakerCooldown: 30 * time.Second,
			ClaimEpsilon:    1,
		},
		Encumbrance: Encumbrance{
			MaturityInterval: time.Minute,
			Locker:           LockerMemory,
			LeaseTTL:         10 * time.Second,
		},
		Evidence: Evidence{
			SnapshotParallelism: 8,
		},
		History: History{
			Backend: BackendMemory,
		},
		Redis: RedisConfig{
			PoolSize:     10,
			MinIdleConns: 2,
			DialTimeout:  5 * time.Second,
			ReadTimeout:  3 * time.Second,
			WriteTimeout: 3 * time.Second,
		},
		Kafka: Kafka{
			ClientID:       "collateral-oracle",
			EventsTopic:    "ownership.events",
			TransfersTopic: "ownership.transfers",
			ConsumerGroup:  "collateral-oracle-ingest",
		},
		Log: Log{
			Level:  "info",
			Format: "json",
		},
	}
}

// Load reads filename over the defaults, then applies environment
// overrides. An empty filename skips the file.
func Load(filename string) (*Config, error) {
	cfg := Default()
	if filename != "" {
		data, err := os.ReadFile(filename)
		if err != nil {
			return nil, fmt.Errorf("failed to read config file %s: %w", filename, err)
		}
		expanded := os.ExpandEnv(string(data))
		if err := yaml.Unmarshal([]byte(expanded), cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config file %s: %w", filename, err)
		}
	}
	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("parse env: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}
	return cfg, nil
}

func (c *Config) Validate() error {
	errs := []error{c.validateSources()}
	return errors.Join(append(errs,
		c.Server.Validate(),
		c.Consensus.Validate(),
		c.Encumbrance.Validate(),
		c.Evidence.Validate(),
		c.History.Validate(),
		c.validateRedis(),
		c.Log.Validate(),
	)...)
}

func (c *Config) validateSources() error {
	seen := make(map[string]bool, len(c.Sources))
	for i := range c.Sources {
		src := &c.Sources[i]
		if err := src.Validate(); err != nil {
			return fmt.Errorf("sources[%d]: %w", i, err)
		}
		if seen[src.ID] {
			return fmt.Errorf("sources[%d]: duplicate source id %q", i, src.ID)
		}
		seen[src.ID] = true
	}
	return nil
}

func (s *Server) Validate() error {
	return validation.ValidateStruct(s,
		validation.Field(&s.Addr, validation.Required),
		validation.Field(&s.ShutdownTimeout, validation.Required),
	)
}

func (c *Consensus) Validate() error {
	return validation.ValidateStruct(c,
		validation.Field(&c.QuorumThreshold, validation.Min(0.0), validation.Max(100.0)),
		validation.Field(&c.SourceTimeout, validation.Required, validation.Min(time.Millisecond)),
		validation.Field(&c.MinResponders, validation.Required, validation.Min(1)),
		validation.Field(&c.TieBand, validation.Min(0.0), validation.Max(100.0)),
		validation.Field(&c.MaxParallel, validation.Required, validation.Min(1)),
		validation.Field(&c.BreakerFailures, validation.Min(0)),
		validation.Field(&c.ClaimEpsilon, validation.Min(0.0)),
	)
}

func (e *Encumbrance) Validate() error {
	return validation.ValidateStruct(e,
		validation.Field(&e.MaturityInterval, validation.Required, validation.Min(time.Second)),
		validation.Field(&e.Locker, validation.Required, validation.In(LockerMemory, LockerRedis)),
		validation.Field(&e.LeaseTTL, validation.Required),
	)
}

func (e *Evidence) Validate() error {
	return validation.ValidateStruct(e,
		validation.Field(&e.ActiveKey, validation.When(len(e.Keys) > 0, validation.Required, validation.By(func(any) error {
			if _, ok := e.Keys[e.ActiveKey]; !ok {
				return errors.New("must name one of the configured keys")
			}
			return nil
		}))),
		validation.Field(&e.SnapshotParallelism, validation.Required, validation.Min(1)),
	)
}

func (h *History) Validate() error {
	return validation.ValidateStruct(h,
		validation.Field(&h.Backend, validation.Required, validation.In(BackendMemory, BackendBolt, BackendPostgres)),
		validation.Field(&h.BoltPath, validation.When(h.Backend == BackendBolt, validation.Required)),
		validation.Field(&h.PostgresDSN, validation.When(h.Backend == BackendPostgres, validation.Required)),
	)
}

func (c *Config) validateRedis() error {
	if c.Encumbrance.Locker == LockerRedis && c.Redis.URL == "" {
		return errors.New("redis: url is required when the encumbrance locker is redis")
	}
	return nil
}

func (l *Log) Validate() error {
	return validation.ValidateStruct(l,
		validation.Field(&l.Level, validation.In("debug", "info", "warn", "error")),
		validation.Field(&l.Format, validation.In("json", "text")),
	)
}

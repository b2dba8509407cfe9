// Package config loads coordinator settings from an optional YAML file plus
// MESH_-prefixed environment variables, with working defaults for every key
// so a bare binary comes up against the in-memory store.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Store backend selectors for Config.Store.Backend.
const (
	StoreMemory   = "memory"
	StorePostgres = "postgres"
	StoreRedis    = "redis"
	StoreEtcd     = "etcd"
)

type Config struct {
	LogLevel   string
	ListenAddr string

	Store StoreConfig

	Registry RegistryConfig
	Assign   AssignConfig
	Dispute  DisputeConfig
	Payment  PaymentConfig
	Events   EventsConfig
}

type StoreConfig struct {
	Backend       string
	PostgresDSN   string
	RedisAddr     string
	RedisDB       int
	EtcdEndpoints []string
}

type RegistryConfig struct {
	LivenessTimeout time.Duration
	SweepInterval   time.Duration
}

type AssignConfig struct {
	TickInterval    time.Duration
	RetentionWindow time.Duration
}

type DisputeConfig struct {
	JurySize           int
	JuryBuffer         int
	ConsensusThreshold int
	MinJury            int
	AcceptWindow       time.Duration
	VoteWindow         time.Duration
	MinJurorReputation int
	SweepInterval      time.Duration
}

type PaymentConfig struct {
	ProtocolFeeBps int
}

type EventsConfig struct {
	SkewWindow     time.Duration
	OutboxCapacity int
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("log_level", "info")
	v.SetDefault("listen_addr", ":8080")

	v.SetDefault("store.backend", StoreMemory)
	v.SetDefault("store.postgres_dsn", "")
	v.SetDefault("store.redis_addr", "127.0.0.1:6379")
	v.SetDefault("store.redis_db", 0)
	v.SetDefault("store.etcd_endpoints", []string{"127.0.0.1:2379"})

	v.SetDefault("registry.liveness_timeout_sec", 90)
	v.SetDefault("registry.sweep_interval_sec", 5)

	v.SetDefault("assign.tick_sec", 2)
	v.SetDefault("assign.retention_sec", 86400)

	v.SetDefault("dispute.jury_size", 10)
	v.SetDefault("dispute.jury_buffer", 5)
	v.SetDefault("dispute.consensus_threshold", 8)
	v.SetDefault("dispute.min_jury", 3)
	v.SetDefault("dispute.accept_window_sec", 300)
	v.SetDefault("dispute.vote_window_sec", 1500)
	v.SetDefault("dispute.min_juror_reputation", 7000)
	v.SetDefault("dispute.sweep_interval_sec", 5)

	v.SetDefault("payment.protocol_fee_bps", 300)

	v.SetDefault("events.skew_sec", 300)
	v.SetDefault("events.outbox_capacity", 1024)
}

// Load reads the configuration, layering environment variables over the file
// at path (optional) over defaults. Env keys replace dots with underscores,
// e.g. MESH_DISPUTE_JURY_SIZE.
func Load(path string) (*Config, error) {
	v := viper.New()
	setDefaults(v)
	v.SetEnvPrefix("MESH")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("read config %s: %w", path, err)
		}
	}

	cfg := &Config{
		LogLevel:   v.GetString("log_level"),
		ListenAddr: v.GetString("listen_addr"),
		Store: StoreConfig{
			Backend:       v.GetString("store.backend"),
			PostgresDSN:   v.GetString("store.postgres_dsn"),
			RedisAddr:     v.GetString("store.redis_addr"),
			RedisDB:       v.GetInt("store.redis_db"),
			EtcdEndpoints: v.GetStringSlice("store.etcd_endpoints"),
		},
		Registry: RegistryConfig{
			LivenessTimeout: secs(v, "registry.liveness_timeout_sec"),
			SweepInterval:   secs(v, "registry.sweep_interval_sec"),
		},
		Assign: AssignConfig{
			TickInterval:    secs(v, "assign.tick_sec"),
			RetentionWindow: secs(v, "assign.retention_sec"),
		},
		Dispute: DisputeConfig{
			JurySize:           v.GetInt("dispute.jury_size"),
			JuryBuffer:         v.GetInt("dispute.jury_buffer"),
			ConsensusThreshold: v.GetInt("dispute.consensus_threshold"),
			MinJury:            v.GetInt("dispute.min_jury"),
			AcceptWindow:       secs(v, "dispute.accept_window_sec"),
			VoteWindow:         secs(v, "dispute.vote_window_sec"),
			MinJurorReputation: v.GetInt("dispute.min_juror_reputation"),
			SweepInterval:      secs(v, "dispute.sweep_interval_sec"),
		},
		Payment: PaymentConfig{
			ProtocolFeeBps: v.GetInt("payment.protocol_fee_bps"),
		},
		Events: EventsConfig{
			SkewWindow:     secs(v, "events.skew_sec"),
			OutboxCapacity: v.GetInt("events.outbox_capacity"),
		},
	}
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) validate() error {
	switch c.Store.Backend {
	case StoreMemory, StorePostgres, StoreRedis, StoreEtcd:
	default:
		return fmt.Errorf("unknown store backend %q", c.Store.Backend)
	}
	if c.Store.Backend == StorePostgres && c.Store.PostgresDSN == "" {
		return fmt.Errorf("store backend postgres requires store.postgres_dsn")
	}
	if c.Dispute.ConsensusThreshold > c.Dispute.JurySize {
		return fmt.Errorf("dispute.consensus_threshold %d exceeds jury_size %d", c.Dispute.ConsensusThreshold, c.Dispute.JurySize)
	}
	if c.Dispute.MinJury > c.Dispute.JurySize {
		return fmt.Errorf("dispute.min_jury %d exceeds jury_size %d", c.Dispute.MinJury, c.Dispute.JurySize)
	}
	if c.Payment.ProtocolFeeBps < 0 || c.Payment.ProtocolFeeBps >= 10000 {
		return fmt.Errorf("payment.protocol_fee_bps %d out of range", c.Payment.ProtocolFeeBps)
	}
	return nil
}

func secs(v *viper.Viper, key string) time.Duration {
	return time.Duration(v.GetInt(key)) * time.Second
}

package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v2"
)

type Config struct {
	Silo         SiloConfig      `yaml:"silo"`
	Gateway      GatewayConfig   `yaml:"gateway"`
	Cluster      ClusterConfig   `yaml:"cluster"`
	Storage      StorageConfig   `yaml:"storage"`
	Redis        RedisConfig     `yaml:"redis"`
	Session      SessionConfig   `yaml:"session"`
	RateLimit    RateLimitConfig `yaml:"rate_limit"`
	Runtime      RuntimeConfig   `yaml:"runtime"`
	Transactions TxnConfig       `yaml:"transactions"`
	Seed         SeedConfig      `yaml:"seed"`
}

type SiloConfig struct {
	Name      string `yaml:"name"`
	Endpoint  string `yaml:"endpoint"` // host:port other silos dial
	Port      int    `yaml:"port"`
	ServiceID string `yaml:"service_id"` // deployment-wide storage namespace
}

type GatewayConfig struct {
	Port            int           `yaml:"port"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
}

type ClusterConfig struct {
	DeploymentID       string        `yaml:"deployment_id"`
	HeartbeatInterval  time.Duration `yaml:"heartbeat_interval"`
	SuspectMultiplier  int           `yaml:"suspect_multiplier"` // missed heartbeats before suspicion
	SuspectQuorum      int           `yaml:"suspect_quorum"`     // distinct suspectors to declare dead
	EvictionGraceRatio int           `yaml:"eviction_grace_ratio"`
}

type StorageConfig struct {
	PostgresDSN string `yaml:"postgres_dsn"`
	MaxConns    int    `yaml:"max_conns"`
}

type RedisConfig struct {
	Addr     string `yaml:"addr"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
}

type SessionConfig struct {
	KeyPrefix          string        `yaml:"key_prefix"`
	Lifetime           time.Duration `yaml:"lifetime"`
	AdminLifetime      time.Duration `yaml:"admin_lifetime"`
	SlidingWindow      time.Duration `yaml:"sliding_window"`
	MaxSessionsPerUser int           `yaml:"max_sessions_per_user"`
	HandshakeWindow    time.Duration `yaml:"handshake_window"` // one-shot connection tickets
}

type RateLimitConfig struct {
	Enabled       bool          `yaml:"enabled"`
	CacheTTL      time.Duration `yaml:"cache_ttl"`
	HistoryLength int           `yaml:"history_length"`
}

type RuntimeConfig struct {
	IdleTimeout     time.Duration `yaml:"idle_timeout"`
	MailboxCapacity int           `yaml:"mailbox_capacity"`
	CallDeadline    time.Duration `yaml:"call_deadline"`
	MaxCallRetries  int           `yaml:"max_call_retries"`
	GCInterval      time.Duration `yaml:"gc_interval"`
}

type TxnConfig struct {
	PrepareTimeout time.Duration `yaml:"prepare_timeout"`
	CommitTimeout  time.Duration `yaml:"commit_timeout"`
}

type SeedConfig struct {
	Path        string `yaml:"path"` // explicit seed file, optional
	ForceReseed bool   `yaml:"force_reseed"`
}

// Load reads the YAML config at path and fills in defaults for anything
// the file leaves unset.
func Load(path string) (*Config, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	var cfg Config
	if err := yaml.NewDecoder(f).Decode(&cfg); err != nil {
		return nil, fmt.Errorf("parse config %s: %w", path, err)
	}
	cfg.applyDefaults()
	return &cfg, nil
}

// Default returns a config suitable for a single-node dev cluster.
func Default() *Config {
	cfg := &Config{}
	cfg.applyDefaults()
	return cfg
}

func (c *Config) applyDefaults() {
	if c.Silo.Port == 0 {
		c.Silo.Port = 7100
	}
	if c.Silo.Endpoint == "" {
		c.Silo.Endpoint = fmt.Sprintf("127.0.0.1:%d", c.Silo.Port)
	}
	if c.Silo.ServiceID == "" {
		c.Silo.ServiceID = "titan"
	}
	if c.Gateway.Port == 0 {
		c.Gateway.Port = 8080
	}
	if c.Gateway.ShutdownTimeout == 0 {
		c.Gateway.ShutdownTimeout = 30 * time.Second
	}
	if c.Cluster.DeploymentID == "" {
		c.Cluster.DeploymentID = "titan-dev"
	}
	if c.Cluster.HeartbeatInterval == 0 {
		c.Cluster.HeartbeatInterval = 5 * time.Second
	}
	if c.Cluster.SuspectMultiplier == 0 {
		c.Cluster.SuspectMultiplier = 3
	}
	if c.Cluster.SuspectQuorum == 0 {
		c.Cluster.SuspectQuorum = 2
	}
	if c.Cluster.EvictionGraceRatio == 0 {
		c.Cluster.EvictionGraceRatio = 4
	}
	if c.Storage.MaxConns == 0 {
		c.Storage.MaxConns = 16
	}
	if c.Redis.Addr == "" {
		c.Redis.Addr = "127.0.0.1:6379"
	}
	if c.Session.KeyPrefix == "" {
		c.Session.KeyPrefix = "session"
	}
	if c.Session.Lifetime == 0 {
		c.Session.Lifetime = 30 * time.Minute
	}
	if c.Session.AdminLifetime == 0 {
		c.Session.AdminLifetime = 15 * time.Minute
	}
	if c.Session.SlidingWindow == 0 {
		c.Session.SlidingWindow = 30 * time.Minute
	}
	if c.Session.HandshakeWindow == 0 {
		c.Session.HandshakeWindow = 10 * time.Second
	}
	if c.RateLimit.CacheTTL == 0 {
		c.RateLimit.CacheTTL = 30 * time.Second
	}
	if c.RateLimit.HistoryLength == 0 {
		c.RateLimit.HistoryLength = 300
	}
	if c.Runtime.IdleTimeout == 0 {
		c.Runtime.IdleTimeout = 10 * time.Minute
	}
	if c.Runtime.MailboxCapacity == 0 {
		c.Runtime.MailboxCapacity = 256
	}
	if c.Runtime.CallDeadline == 0 {
		c.Runtime.CallDeadline = 30 * time.Second
	}
	if c.Runtime.MaxCallRetries == 0 {
		c.Runtime.MaxCallRetries = 3
	}
	if c.Runtime.GCInterval == 0 {
		c.Runtime.GCInterval = time.Minute
	}
	if c.Transactions.PrepareTimeout == 0 {
		c.Transactions.PrepareTimeout = 10 * time.Second
	}
	if c.Transactions.CommitTimeout == 0 {
		c.Transactions.CommitTimeout = 10 * time.Second
	}

	// Env overrides for the handful of values that differ per deployment.
	if v := os.Getenv("TITAN_POSTGRES_DSN"); v != "" {
		c.Storage.PostgresDSN = v
	}
	if v := os.Getenv("TITAN_REDIS_ADDR"); v != "" {
		c.Redis.Addr = v
	}
	if v := os.Getenv("TITAN_SILO_ENDPOINT"); v != "" {
		c.Silo.Endpoint = v
	}
}

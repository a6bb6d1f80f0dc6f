package config

import (
	"log/slog"
	"os"
	"strconv"
	"sync"

	"gopkg.in/yaml.v2"
)

// =============================================================================
// Execution core configuration, with environment overrides
// =============================================================================

type Config struct {
	Server    ServerConfig    `yaml:"server"`
	Pool      PoolConfig      `yaml:"pool"`
	Quotas    QuotaConfig     `yaml:"quotas"`
	Artifacts ArtifactConfig  `yaml:"artifacts"`
	EventBus  EventBusConfig  `yaml:"event_bus"`
	Dispatch  DispatchConfig  `yaml:"dispatch"`
	PubSub    PubSubConfig    `yaml:"pubsub"`
	Redis     RedisConfig     `yaml:"redis"`
	Security  SecurityConfig  `yaml:"security"`
	Postgres  PostgresConfig  `yaml:"postgres"`
}

type ServerConfig struct {
	Port            string `yaml:"port"`
	Env             string `yaml:"env"`
	Interface       string `yaml:"interface"`
	ReadTimeoutSec  int    `yaml:"read_timeout_sec"`
	WriteTimeoutSec int    `yaml:"write_timeout_sec"`
	IdleTimeoutSec  int    `yaml:"idle_timeout_sec"`
	ShutdownTimeout int    `yaml:"shutdown_timeout_sec"`
}

// PoolConfig configures the pooled worker backend.
type PoolConfig struct {
	Backend                string `yaml:"backend"` // "subprocess" or "docker"
	WorkerBinary           string `yaml:"worker_binary"`
	DockerImage            string `yaml:"docker_image"`
	Min                    int    `yaml:"min"`
	Max                    int    `yaml:"max"`
	MaxRequestsPerWorker   int64  `yaml:"max_requests_per_worker"`
	MaxUptimeSec           int    `yaml:"max_uptime_sec"`
	MaxConcurrentPerPlugin int    `yaml:"max_concurrent_per_plugin"`
	StartupTimeoutSec      int    `yaml:"startup_timeout_sec"`
	HealthCheckTimeoutSec  int    `yaml:"health_check_timeout_sec"`
	HealthCheckIntervalSec int    `yaml:"health_check_interval_sec"`
	ShutdownTimeoutSec     int    `yaml:"shutdown_timeout_sec"`
	WarmupMode             string `yaml:"warmup_mode"` // "eager" or "lazy"
}

// QuotaConfig holds default resource envelope values, loaded from YAML and
// the environment. The admin execute route passes the caller's quotas
// through as given and does not fill them in from these values.
type QuotaConfig struct {
	TimeMs          int64 `yaml:"time_ms"`
	MemoryMB        int64 `yaml:"memory_mb"`
	CPUMs           int64 `yaml:"cpu_ms"`
	EventsPerMinute int   `yaml:"events_per_minute"`
}

// ArtifactConfig points the artifact broker at its content-addressed
// storage root.
type ArtifactConfig struct {
	BaseDir string `yaml:"base_dir"`
}

// EventBusConfig holds event bus limits, loaded from YAML and the
// environment. The worker binary builds its bus registry from
// eventbus.Config{} and does not read these values.
type EventBusConfig struct {
	MaxListenersPerTopic int    `yaml:"max_listeners_per_topic"`
	MaxPayloadBytes      int    `yaml:"max_payload_bytes"`
	DedupCacheSize       int    `yaml:"dedup_cache_size"`
	DedupTTLSec          int    `yaml:"dedup_ttl_sec"`
	DropPolicy           string `yaml:"drop_policy"` // "drop-oldest" or "drop-new"
	QueueDepth           int    `yaml:"queue_depth"`
	ConcurrentHandlers   int    `yaml:"concurrent_handlers"`
}

// DispatchConfig controls execution backend selection and debug behavior.
type DispatchConfig struct {
	Mode              string `yaml:"mode"` // in-process, subprocess, worker-pool, remote, auto
	DefaultTimeoutSec int    `yaml:"default_timeout_sec"`
	Debug             bool   `yaml:"debug"`
	RemoteAddr        string `yaml:"remote_addr"` // gRPC target for the remote backend stub
}

// PubSubConfig enables the Google Cloud Pub/Sub relay that execd
// constructs at startup. Event bus emits are not forwarded to it.
type PubSubConfig struct {
	ProjectID string `yaml:"project_id"`
	TopicID   string `yaml:"topic_id"`
	Enabled   bool   `yaml:"enabled"`
}

// RedisConfig enables the Redis pub/sub relay that execd constructs at
// startup. Event bus emits are not forwarded to it.
type RedisConfig struct {
	Addr     string `yaml:"addr"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
	Enabled  bool   `yaml:"enabled"`
}

// SecurityConfig gates optional mutual TLS between the host daemon and
// its admin API clients via SPIFFE/SPIRE workload identity.
type SecurityConfig struct {
	MTLSEnabled     bool   `yaml:"mtls_enabled"`
	SpiffeSocket    string `yaml:"spiffe_socket"`
	TrustDomain     string `yaml:"trust_domain"`
	HMACSecret      string `yaml:"hmac_secret"`
}

// PostgresConfig, when enabled, makes execd open and ping a Postgres
// connection at startup. Operation tracker records are not written to it;
// they stay in memory only.
type PostgresConfig struct {
	DSN     string `yaml:"dsn"`
	Enabled bool   `yaml:"enabled"`
}

// =============================================================================
// Singleton pattern with environment overrides
// =============================================================================

var (
	instance *Config
	once     sync.Once
)

// Get returns the process-wide singleton config instance.
func Get() *Config {
	once.Do(func() {
		cfg, err := LoadConfig(getEnv("CONFIG_PATH", "config.yaml"))
		if err != nil {
			slog.Warn("config: failed to load config file, using defaults", "error", err)
		}
		if cfg == nil {
			cfg = &Config{}
		}
		cfg.applyEnvOverrides()
		instance = cfg
	})
	return instance
}

// LoadConfig loads config from a YAML file.
func LoadConfig(path string) (*Config, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	var cfg Config
	decoder := yaml.NewDecoder(f)
	if err := decoder.Decode(&cfg); err != nil {
		return nil, err
	}

	return &cfg, nil
}

// applyEnvOverrides applies environment variable overrides.
func (c *Config) applyEnvOverrides() {
	c.Server.Port = getEnv("PORT", c.Server.Port)
	c.Server.Env = getEnv("EXECCORE_ENV", c.Server.Env)
	c.Server.Interface = getEnv("EXECCORE_INTERFACE", c.Server.Interface)
	if v := getEnvInt("SERVER_READ_TIMEOUT_SEC", 0); v > 0 {
		c.Server.ReadTimeoutSec = v
	}
	if v := getEnvInt("SERVER_WRITE_TIMEOUT_SEC", 0); v > 0 {
		c.Server.WriteTimeoutSec = v
	}
	if v := getEnvInt("SERVER_SHUTDOWN_TIMEOUT_SEC", 0); v > 0 {
		c.Server.ShutdownTimeout = v
	}

	c.Pool.Backend = getEnv("POOL_BACKEND", c.Pool.Backend)
	c.Pool.WorkerBinary = getEnv("POOL_WORKER_BINARY", c.Pool.WorkerBinary)
	c.Pool.DockerImage = getEnv("POOL_DOCKER_IMAGE", c.Pool.DockerImage)
	if v := getEnvInt("POOL_MIN", 0); v > 0 {
		c.Pool.Min = v
	}
	if v := getEnvInt("POOL_MAX", 0); v > 0 {
		c.Pool.Max = v
	}
	if v := getEnvInt("POOL_MAX_CONCURRENT_PER_PLUGIN", 0); v > 0 {
		c.Pool.MaxConcurrentPerPlugin = v
	}
	c.Pool.WarmupMode = getEnv("POOL_WARMUP_MODE", c.Pool.WarmupMode)

	if v := getEnvInt("QUOTA_TIME_MS", 0); v > 0 {
		c.Quotas.TimeMs = int64(v)
	}
	if v := getEnvInt("QUOTA_MEMORY_MB", 0); v > 0 {
		c.Quotas.MemoryMB = int64(v)
	}
	if v := getEnvInt("QUOTA_EVENTS_PER_MINUTE", 0); v > 0 {
		c.Quotas.EventsPerMinute = v
	}

	c.Artifacts.BaseDir = getEnv("ARTIFACT_BASE_DIR", c.Artifacts.BaseDir)

	if v := getEnvInt("EVENTBUS_MAX_LISTENERS_PER_TOPIC", 0); v > 0 {
		c.EventBus.MaxListenersPerTopic = v
	}
	if v := getEnvInt("EVENTBUS_MAX_PAYLOAD_BYTES", 0); v > 0 {
		c.EventBus.MaxPayloadBytes = v
	}
	c.EventBus.DropPolicy = getEnv("EVENTBUS_DROP_POLICY", c.EventBus.DropPolicy)

	c.Dispatch.Mode = getEnv("EXECUTION_MODE", c.Dispatch.Mode)
	c.Dispatch.Debug = getEnvBool("EXECCORE_DEBUG", c.Dispatch.Debug)
	if v := getEnvInt("DISPATCH_DEFAULT_TIMEOUT_SEC", 0); v > 0 {
		c.Dispatch.DefaultTimeoutSec = v
	}
	c.Dispatch.RemoteAddr = getEnv("DISPATCH_REMOTE_ADDR", c.Dispatch.RemoteAddr)

	if projectID := getEnv("GCP_PROJECT_ID", ""); projectID != "" {
		c.PubSub.ProjectID = projectID
	}
	c.PubSub.TopicID = getEnv("PUBSUB_TOPIC_ID", c.PubSub.TopicID)
	c.PubSub.Enabled = getEnvBool("PUBSUB_ENABLED", c.PubSub.Enabled)

	c.Redis.Addr = getEnv("REDIS_ADDR", c.Redis.Addr)
	c.Redis.Enabled = getEnvBool("REDIS_ENABLED", c.Redis.Enabled)

	c.Security.MTLSEnabled = getEnvBool("EXECCORE_MTLS_ENABLED", c.Security.MTLSEnabled)
	c.Security.SpiffeSocket = getEnv("SPIFFE_ENDPOINT_SOCKET", c.Security.SpiffeSocket)
	c.Security.TrustDomain = getEnv("EXECCORE_TRUST_DOMAIN", c.Security.TrustDomain)
	c.Security.HMACSecret = getEnv("EXECCORE_HMAC_SECRET", c.Security.HMACSecret)

	c.Postgres.DSN = getEnv("POSTGRES_DSN", c.Postgres.DSN)
	c.Postgres.Enabled = getEnvBool("POSTGRES_ENABLED", c.Postgres.Enabled)

	c.applyDefaults()
}

// applyDefaults sets sensible defaults for zero-valued config fields.
func (c *Config) applyDefaults() {
	if c.Server.Port == "" {
		c.Server.Port = "8080"
	}
	if c.Server.ReadTimeoutSec == 0 {
		c.Server.ReadTimeoutSec = 15
	}
	if c.Server.WriteTimeoutSec == 0 {
		c.Server.WriteTimeoutSec = 15
	}
	if c.Server.IdleTimeoutSec == 0 {
		c.Server.IdleTimeoutSec = 60
	}
	if c.Server.ShutdownTimeout == 0 {
		c.Server.ShutdownTimeout = 30
	}

	if c.Pool.Backend == "" {
		c.Pool.Backend = "subprocess"
	}
	if c.Pool.Max == 0 {
		c.Pool.Max = 4
	}
	if c.Pool.MaxConcurrentPerPlugin == 0 {
		c.Pool.MaxConcurrentPerPlugin = c.Pool.Max
	}
	if c.Pool.StartupTimeoutSec == 0 {
		c.Pool.StartupTimeoutSec = 10
	}
	if c.Pool.HealthCheckTimeoutSec == 0 {
		c.Pool.HealthCheckTimeoutSec = 2
	}
	if c.Pool.HealthCheckIntervalSec == 0 {
		c.Pool.HealthCheckIntervalSec = 30
	}
	if c.Pool.ShutdownTimeoutSec == 0 {
		c.Pool.ShutdownTimeoutSec = 10
	}
	if c.Pool.WarmupMode == "" {
		c.Pool.WarmupMode = "lazy"
	}

	if c.Quotas.TimeMs == 0 {
		c.Quotas.TimeMs = 30_000
	}
	if c.Quotas.MemoryMB == 0 {
		c.Quotas.MemoryMB = 256
	}
	if c.Quotas.EventsPerMinute == 0 {
		c.Quotas.EventsPerMinute = 600
	}

	if c.Artifacts.BaseDir == "" {
		c.Artifacts.BaseDir = "./data/artifacts"
	}

	if c.EventBus.MaxListenersPerTopic == 0 {
		c.EventBus.MaxListenersPerTopic = 50
	}
	if c.EventBus.MaxPayloadBytes == 0 {
		c.EventBus.MaxPayloadBytes = 256 * 1024
	}
	if c.EventBus.DedupCacheSize == 0 {
		c.EventBus.DedupCacheSize = 1000
	}
	if c.EventBus.DedupTTLSec == 0 {
		c.EventBus.DedupTTLSec = 60
	}
	if c.EventBus.DropPolicy == "" {
		c.EventBus.DropPolicy = "drop-oldest"
	}
	if c.EventBus.QueueDepth == 0 {
		c.EventBus.QueueDepth = 100
	}
	if c.EventBus.ConcurrentHandlers == 0 {
		c.EventBus.ConcurrentHandlers = 4
	}

	if c.Dispatch.Mode == "" {
		c.Dispatch.Mode = "auto"
	}
	if c.Dispatch.DefaultTimeoutSec == 0 {
		c.Dispatch.DefaultTimeoutSec = 30
	}

	if c.PubSub.TopicID == "" {
		c.PubSub.TopicID = "execcore-events"
	}
}

// =============================================================================
// Helper functions
// =============================================================================

func getEnv(key, defaultVal string) string {
	if val := os.Getenv(key); val != "" {
		return val
	}
	return defaultVal
}

func getEnvBool(key string, defaultVal bool) bool {
	if val := os.Getenv(key); val != "" {
		return val == "true" || val == "1"
	}
	return defaultVal
}

func getEnvInt(key string, defaultVal int) int {
	if val := os.Getenv(key); val != "" {
		if i, err := strconv.Atoi(val); err == nil {
			return i
		}
	}
	return defaultVal
}

// =============================================================================
// Convenience methods
// =============================================================================

func (c *Config) IsProduction() bool {
	return c.Server.Env == "production"
}

func (c *Config) IsDevelopment() bool {
	return c.Server.Env == "development"
}

func (c *Config) GetPort() string {
	if c.Server.Port == "" {
		return "8080"
	}
	return c.Server.Port
}

// Package config provides configuration management for a Flock node.
// It supports loading configuration from environment variables, config files, and defaults.
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config holds all configuration sections for a Flock node.
type Config struct {
	Node      NodeConfig      `mapstructure:"node"`
	Server    ServerConfig    `mapstructure:"server"`
	Parent    ParentConfig    `mapstructure:"parent"`
	Topology  TopologyConfig  `mapstructure:"topology"`
	Database  DatabaseConfig  `mapstructure:"database"`
	NATS      NATSConfig      `mapstructure:"nats"`
	Executor  ExecutorConfig  `mapstructure:"executor"`
	Migration MigrationConfig `mapstructure:"migration"`
	Scheduler SchedulerConfig `mapstructure:"scheduler"`
	Logging   LoggingConfig   `mapstructure:"logging"`
}

// NodeConfig identifies this node within the mesh.
type NodeConfig struct {
	ID       string `mapstructure:"id"`
	HomeRoot string `mapstructure:"homeRoot"` // root directory for agent homes
}

// ServerConfig holds HTTP server configuration.
type ServerConfig struct {
	Host         string `mapstructure:"host"`
	Port         int    `mapstructure:"port"`
	BasePath     string `mapstructure:"basePath"` // URL prefix, default /flock
	PublicURL    string `mapstructure:"publicUrl"`
	ReadTimeout  int    `mapstructure:"readTimeout"`  // in seconds
	WriteTimeout int    `mapstructure:"writeTimeout"` // in seconds
}

// ParentConfig points at an upstream registry node consulted when the
// local registry lacks an agent.
type ParentConfig struct {
	Endpoint   string `mapstructure:"endpoint"`   // empty disables parent lookup
	TimeoutMs  int    `mapstructure:"timeoutMs"`  // default 5000
	CacheTTLMs int    `mapstructure:"cacheTtlMs"` // default 300000
	CacheSize  int    `mapstructure:"cacheSize"`  // max parent-cache entries
}

// TopologyConfig selects the routing topology of this node.
type TopologyConfig struct {
	Mode            string `mapstructure:"mode"` // peer, central, worker
	CentralEndpoint string `mapstructure:"centralEndpoint"`
	CentralSysadmin string `mapstructure:"centralSysadmin"` // agent ID of the central sysadmin
}

// DatabaseConfig selects the backing store engine.
type DatabaseConfig struct {
	Driver string `mapstructure:"driver"` // memory, sqlite
	Path   string `mapstructure:"path"`   // sqlite file path
}

// NATSConfig holds NATS messaging configuration. Empty URL selects the
// in-memory event bus.
type NATSConfig struct {
	URL           string `mapstructure:"url"`
	ClientID      string `mapstructure:"clientId"`
	MaxReconnects int    `mapstructure:"maxReconnects"`
}

// ExecutorConfig holds agent execution configuration.
type ExecutorConfig struct {
	ResponseTimeoutMs int `mapstructure:"responseTimeoutMs"` // default 600000
	ClientTimeoutMs   int `mapstructure:"clientTimeoutMs"`   // remote dispatch, default 120000
}

// MigrationConfig holds migration engine configuration.
type MigrationConfig struct {
	MaxPortableSizeBytes int64 `mapstructure:"maxPortableSizeBytes"` // default 4 GiB
	FreezeTimeoutMs      int   `mapstructure:"freezeTimeoutMs"`
	TransferTimeoutMs    int   `mapstructure:"transferTimeoutMs"`
	VerifyTimeoutMs      int   `mapstructure:"verifyTimeoutMs"`
	RehydrateTimeoutMs   int   `mapstructure:"rehydrateTimeoutMs"`
}

// SchedulerConfig holds the periodic agent tick configuration.
type SchedulerConfig struct {
	TickIntervalMs int `mapstructure:"tickIntervalMs"` // default 5000
}

// LoggingConfig holds logging configuration.
type LoggingConfig struct {
	Level      string `mapstructure:"level"`
	Format     string `mapstructure:"format"`
	OutputPath string `mapstructure:"outputPath"`
}

// ParentTimeout returns the parent lookup timeout as a time.Duration.
func (p *ParentConfig) ParentTimeout() time.Duration {
	return time.Duration(p.TimeoutMs) * time.Millisecond
}

// CacheTTL returns the parent-cache TTL as a time.Duration.
func (p *ParentConfig) CacheTTL() time.Duration {
	return time.Duration(p.CacheTTLMs) * time.Millisecond
}

// ResponseTimeout returns the session response timeout as a time.Duration.
func (e *ExecutorConfig) ResponseTimeout() time.Duration {
	return time.Duration(e.ResponseTimeoutMs) * time.Millisecond
}

// ClientTimeout returns the remote dispatch timeout as a time.Duration.
func (e *ExecutorConfig) ClientTimeout() time.Duration {
	return time.Duration(e.ClientTimeoutMs) * time.Millisecond
}

// TickInterval returns the scheduler tick interval as a time.Duration.
func (s *SchedulerConfig) TickInterval() time.Duration {
	return time.Duration(s.TickIntervalMs) * time.Millisecond
}

// detectDefaultLogFormat returns "json" in production environments and
// "text" for terminal/development use.
func detectDefaultLogFormat() string {
	if os.Getenv("KUBERNETES_SERVICE_HOST") != "" {
		return "json"
	}
	if env := os.Getenv("FLOCK_ENV"); env == "production" || env == "prod" {
		return "json"
	}
	return "text"
}

// setDefaults configures default values for all configuration options.
func setDefaults(v *viper.Viper) {
	v.SetDefault("node.id", "")
	v.SetDefault("node.homeRoot", "~/.flock/homes")

	v.SetDefault("server.host", "0.0.0.0")
	v.SetDefault("server.port", 3001)
	v.SetDefault("server.basePath", "/flock")
	v.SetDefault("server.publicUrl", "")
	v.SetDefault("server.readTimeout", 30)
	v.SetDefault("server.writeTimeout", 30)

	v.SetDefault("parent.endpoint", "")
	v.SetDefault("parent.timeoutMs", 5000)
	v.SetDefault("parent.cacheTtlMs", 300000) // 5 minutes
	v.SetDefault("parent.cacheSize", 1024)

	v.SetDefault("topology.mode", "peer")
	v.SetDefault("topology.centralEndpoint", "")
	v.SetDefault("topology.centralSysadmin", "sysadmin")

	v.SetDefault("database.driver", "sqlite")
	v.SetDefault("database.path", "~/.flock/flock.db")

	// NATS defaults - empty URL means use in-memory event bus
	v.SetDefault("nats.url", "")
	v.SetDefault("nats.clientId", "flock-node")
	v.SetDefault("nats.maxReconnects", 10)

	v.SetDefault("executor.responseTimeoutMs", 600000) // 10 minutes
	v.SetDefault("executor.clientTimeoutMs", 120000)   // 2 minutes

	v.SetDefault("migration.maxPortableSizeBytes", int64(4)<<30) // 4 GiB
	v.SetDefault("migration.freezeTimeoutMs", 30000)
	v.SetDefault("migration.transferTimeoutMs", 300000)
	v.SetDefault("migration.verifyTimeoutMs", 60000)
	v.SetDefault("migration.rehydrateTimeoutMs", 300000)

	v.SetDefault("scheduler.tickIntervalMs", 5000)

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", detectDefaultLogFormat())
	v.SetDefault("logging.outputPath", "stdout")
}

// Load reads configuration from environment variables, config file, and defaults.
// Environment variables use the prefix FLOCK_ with snake_case naming.
// Config file should be named flock.yaml and placed in the current
// directory or /etc/flock/.
func Load() (*Config, error) {
	return LoadWithPath("")
}

// LoadWithPath reads configuration from the specified path or default locations.
func LoadWithPath(configPath string) (*Config, error) {
	v := viper.New()

	setDefaults(v)

	v.SetEnvPrefix("FLOCK")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// AutomaticEnv does not handle camelCase to SNAKE_CASE conversion,
	// so bind the keys whose env var naming differs from the config key.
	_ = v.BindEnv("node.id", "FLOCK_NODE_ID")
	_ = v.BindEnv("server.basePath", "FLOCK_SERVER_BASE_PATH")
	_ = v.BindEnv("server.publicUrl", "FLOCK_SERVER_PUBLIC_URL")
	_ = v.BindEnv("parent.endpoint", "FLOCK_PARENT_ENDPOINT")
	_ = v.BindEnv("topology.centralEndpoint", "FLOCK_TOPOLOGY_CENTRAL_ENDPOINT")

	v.SetConfigName("flock")
	v.SetConfigType("yaml")

	if configPath != "" {
		v.AddConfigPath(configPath)
	}
	v.AddConfigPath(".")
	v.AddConfigPath("/etc/flock/")

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("error reading config file: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("error unmarshaling config: %w", err)
	}

	if err := validate(&cfg); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return &cfg, nil
}

func validate(cfg *Config) error {
	if cfg.Node.ID == "" {
		return fmt.Errorf("node.id is required")
	}
	switch cfg.Topology.Mode {
	case "peer", "central", "worker":
	default:
		return fmt.Errorf("topology.mode must be one of peer, central, worker")
	}
	if cfg.Topology.Mode == "worker" && cfg.Topology.CentralEndpoint == "" {
		return fmt.Errorf("topology.centralEndpoint is required in worker mode")
	}
	switch cfg.Database.Driver {
	case "memory", "sqlite":
	default:
		return fmt.Errorf("database.driver must be memory or sqlite")
	}
	return nil
}

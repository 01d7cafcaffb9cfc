// Package config loads shardsched settings from defaults, an optional YAML
// file, SHARDSCHED_* environment variables and command-line flags.
package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// EnvPrefix prefixes environment overrides, e.g. SHARDSCHED_SERVER_ADDR.
const EnvPrefix = "SHARDSCHED"

// Config is the full process configuration.
type Config struct {
	Server    ServerConfig    `mapstructure:"server"`
	Log       LogConfig       `mapstructure:"log"`
	Store     StoreConfig     `mapstructure:"store"`
	Scheduler SchedulerConfig `mapstructure:"scheduler"`
	Jobs      JobsConfig      `mapstructure:"jobs"`
	Cluster   ClusterConfig   `mapstructure:"cluster"`
	Agent     AgentConfig     `mapstructure:"agent"`
}

// ServerConfig holds configuration for the HTTP API.
type ServerConfig struct {
	Addr string `mapstructure:"addr"` // Listen address (default ":8080")
}

// LogConfig selects the slog handler.
type LogConfig struct {
	Level  string `mapstructure:"level"`  // debug, info, warn, error
	Format string `mapstructure:"format"` // text, json
}

// StoreConfig locates the coordination database.
type StoreConfig struct {
	Path string `mapstructure:"path"` // SQLite path, ":memory:" for tests
}

// SchedulerConfig tunes the scheduling queues.
type SchedulerConfig struct {
	// QueueMaxSize caps each queue root's child count. Zero or less is unlimited.
	QueueMaxSize int `mapstructure:"queue_max_size"`
}

// JobsConfig points at the job definition files.
type JobsConfig struct {
	Dir     string `mapstructure:"dir"`
	Pattern string `mapstructure:"pattern"`
	Watch   bool   `mapstructure:"watch"`
}

// ClusterConfig tunes the built-in resource manager.
type ClusterConfig struct {
	OfferInterval time.Duration `mapstructure:"offer_interval"`
	OfferRate     float64       `mapstructure:"offer_rate"`
	OfferTimeout  time.Duration `mapstructure:"offer_timeout"`
	AgentTimeout  time.Duration `mapstructure:"agent_timeout"`
}

// AgentConfig configures a worker node.
type AgentConfig struct {
	Server       string        `mapstructure:"server"`
	Hostname     string        `mapstructure:"hostname"`
	CPU          float64       `mapstructure:"cpu"`
	MemoryMB     float64       `mapstructure:"memory_mb"`
	PollInterval time.Duration `mapstructure:"poll_interval"`
	WorkDir      string        `mapstructure:"work_dir"`
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() Config {
	host, _ := os.Hostname()
	return Config{
		Server:    ServerConfig{Addr: ":8080"},
		Log:       LogConfig{Level: "info", Format: "text"},
		Store:     StoreConfig{Path: "shardsched.db"},
		Scheduler: SchedulerConfig{QueueMaxSize: 10000},
		Jobs:      JobsConfig{Pattern: "**/*.yaml", Watch: true},
		Cluster: ClusterConfig{
			OfferInterval: time.Second,
			OfferTimeout:  30 * time.Second,
			AgentTimeout:  30 * time.Second,
		},
		Agent: AgentConfig{
			Server:       "http://localhost:8080",
			Hostname:     host,
			CPU:          1,
			MemoryMB:     1024,
			PollInterval: 2 * time.Second,
		},
	}
}

// SetDefaults registers every key of DefaultConfig on v so that environment
// overrides resolve for keys absent from the config file.
func SetDefaults(v *viper.Viper) {
	d := DefaultConfig()
	v.SetDefault("server.addr", d.Server.Addr)
	v.SetDefault("log.level", d.Log.Level)
	v.SetDefault("log.format", d.Log.Format)
	v.SetDefault("store.path", d.Store.Path)
	v.SetDefault("scheduler.queue_max_size", d.Scheduler.QueueMaxSize)
	v.SetDefault("jobs.dir", d.Jobs.Dir)
	v.SetDefault("jobs.pattern", d.Jobs.Pattern)
	v.SetDefault("jobs.watch", d.Jobs.Watch)
	v.SetDefault("cluster.offer_interval", d.Cluster.OfferInterval)
	v.SetDefault("cluster.offer_rate", d.Cluster.OfferRate)
	v.SetDefault("cluster.offer_timeout", d.Cluster.OfferTimeout)
	v.SetDefault("cluster.agent_timeout", d.Cluster.AgentTimeout)
	v.SetDefault("agent.server", d.Agent.Server)
	v.SetDefault("agent.hostname", d.Agent.Hostname)
	v.SetDefault("agent.cpu", d.Agent.CPU)
	v.SetDefault("agent.memory_mb", d.Agent.MemoryMB)
	v.SetDefault("agent.poll_interval", d.Agent.PollInterval)
	v.SetDefault("agent.work_dir", d.Agent.WorkDir)
}

// Load resolves the configuration on v. Flags must already be bound. An
// empty path skips the config file.
func Load(v *viper.Viper, path string) (Config, error) {
	SetDefaults(v)
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return Config{}, fmt.Errorf("read config %s: %w", path, err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("decode config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate reports every invalid setting at once.
func (c Config) Validate() error {
	var errs []error
	if c.Server.Addr == "" {
		errs = append(errs, errors.New("server.addr is required"))
	}
	switch strings.ToLower(c.Log.Format) {
	case "text", "json":
	default:
		errs = append(errs, fmt.Errorf("log.format %q must be text or json", c.Log.Format))
	}
	if c.Store.Path == "" {
		errs = append(errs, errors.New("store.path is required"))
	}
	if c.Cluster.OfferInterval <= 0 {
		errs = append(errs, errors.New("cluster.offer_interval must be positive"))
	}
	if c.Cluster.OfferRate < 0 {
		errs = append(errs, errors.New("cluster.offer_rate must not be negative"))
	}
	if c.Cluster.OfferTimeout <= 0 {
		errs = append(errs, errors.New("cluster.offer_timeout must be positive"))
	}
	if c.Cluster.AgentTimeout <= 0 {
		errs = append(errs, errors.New("cluster.agent_timeout must be positive"))
	}
	if c.Agent.PollInterval <= 0 {
		errs = append(errs, errors.New("agent.poll_interval must be positive"))
	}
	if c.Agent.CPU <= 0 || c.Agent.MemoryMB <= 0 {
		errs = append(errs, errors.New("agent.cpu and agent.memory_mb must be positive"))
	}
	return errors.Join(errs...)
}

package config

import (
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// PostgresConfig holds metadata store connection settings.
type PostgresConfig struct {
	DSN string `yaml:"dsn"`
}

// RedisConfig holds Redis connection settings for the tag read cache.
type RedisConfig struct {
	Addr     string `yaml:"addr"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
}

// CoordinatorConfig holds control-loop settings.
type CoordinatorConfig struct {
	// TickInterval is the sleep between control-loop passes.
	TickInterval time.Duration `yaml:"tick_interval"`
	// PollInterval is the sleep between liveness probes inside workers.
	PollInterval time.Duration `yaml:"poll_interval"`
	// Autostart gates the coordinator loop (RUN_COORDINATOR).
	Autostart bool `yaml:"autostart"`
}

// DaemonConfig holds daemon-specific settings.
type DaemonConfig struct {
	HTTPAddr string `yaml:"http_addr"`
	LogLevel string `yaml:"log_level"`
}

// ProxmoxConfig holds engine adapter settings for a Proxmox node.
type ProxmoxConfig struct {
	Host        string `yaml:"host"`
	User        string `yaml:"user"`
	Password    string `yaml:"password"`
	VerifySSL   bool   `yaml:"verify_ssl"`
	PrimaryNode string `yaml:"primary_node"`
	ListenAddr  string `yaml:"listen_addr"`
}

// TracingConfig holds OTLP tracing settings.
type TracingConfig struct {
	Enabled     bool    `yaml:"enabled"`
	Exporter    string  `yaml:"exporter"`
	Endpoint    string  `yaml:"endpoint"`
	ServiceName string  `yaml:"service_name"`
	SampleRate  float64 `yaml:"sample_rate"`
}

// MetricsConfig holds Prometheus settings.
type MetricsConfig struct {
	Enabled   bool   `yaml:"enabled"`
	Namespace string `yaml:"namespace"`
}

// LoggingConfig selects the operational log handler.
type LoggingConfig struct {
	Format string `yaml:"format"` // text or json
	Level  string `yaml:"level"`
	// TransitionLog is an optional JSON-lines file recording every
	// reservation/workstation state transition.
	TransitionLog string `yaml:"transition_log"`
}

// ObservabilityConfig groups tracing, metrics, and logging.
type ObservabilityConfig struct {
	Tracing TracingConfig `yaml:"tracing"`
	Metrics MetricsConfig `yaml:"metrics"`
	Logging LoggingConfig `yaml:"logging"`
}

// Config is the central configuration struct embedding all component configs.
type Config struct {
	Postgres      PostgresConfig      `yaml:"postgres"`
	Redis         RedisConfig         `yaml:"redis"`
	Coordinator   CoordinatorConfig   `yaml:"coordinator"`
	Daemon        DaemonConfig        `yaml:"daemon"`
	Proxmox       ProxmoxConfig       `yaml:"proxmox"`
	Observability ObservabilityConfig `yaml:"observability"`
}

// DefaultConfig returns a Config with sensible defaults.
func DefaultConfig() *Config {
	return &Config{
		Redis: RedisConfig{
			Addr: "",
			DB:   0,
		},
		Coordinator: CoordinatorConfig{
			TickInterval: 5 * time.Second,
			PollInterval: 5 * time.Second,
			Autostart:    true,
		},
		Daemon: DaemonConfig{
			HTTPAddr: ":8080",
			LogLevel: "info",
		},
		Proxmox: ProxmoxConfig{
			Host:        "127.0.0.1",
			User:        "root@pam",
			VerifySSL:   true,
			PrimaryNode: "pve",
			ListenAddr:  ":5000",
		},
		Observability: ObservabilityConfig{
			Tracing: TracingConfig{
				Enabled:     false,
				Exporter:    "otlp-http",
				Endpoint:    "localhost:4318",
				ServiceName: "atrium",
				SampleRate:  1.0,
			},
			Metrics: MetricsConfig{
				Enabled:   true,
				Namespace: "atrium",
			},
			Logging: LoggingConfig{
				Format: "text",
				Level:  "info",
			},
		},
	}
}

// LoadFromFile loads configuration from a YAML file on top of the defaults.
func LoadFromFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	cfg := DefaultConfig()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, err
	}

	return cfg, nil
}

// LoadFromEnv applies environment variable overrides to the config.
func LoadFromEnv(cfg *Config) {
	if v := os.Getenv("ATRIUM_PG_DSN"); v != "" {
		cfg.Postgres.DSN = v
	}
	if v := os.Getenv("ATRIUM_REDIS_ADDR"); v != "" {
		cfg.Redis.Addr = v
	}
	if v := os.Getenv("ATRIUM_REDIS_PASSWORD"); v != "" {
		cfg.Redis.Password = v
	}
	if v := os.Getenv("ATRIUM_HTTP_ADDR"); v != "" {
		cfg.Daemon.HTTPAddr = v
	}
	if v := os.Getenv("ATRIUM_LOG_LEVEL"); v != "" {
		cfg.Daemon.LogLevel = v
	}
	if v := os.Getenv("RUN_COORDINATOR"); v != "" {
		cfg.Coordinator.Autostart = truthy(v)
	}
	if v := os.Getenv("PROXMOX_HOST"); v != "" {
		cfg.Proxmox.Host = v
	}
	if v := os.Getenv("PROXMOX_USER"); v != "" {
		cfg.Proxmox.User = v
	}
	if v := os.Getenv("PROXMOX_PASSWORD"); v != "" {
		cfg.Proxmox.Password = v
	}
	if v := os.Getenv("PROXMOX_VERIFY_SSL"); v != "" {
		cfg.Proxmox.VerifySSL = truthy(v)
	}
	if v := os.Getenv("PROXMOX_PRIMARY_NODE"); v != "" {
		cfg.Proxmox.PrimaryNode = v
	}
	if v := os.Getenv("ENGINED_LISTEN_ADDR"); v != "" {
		cfg.Proxmox.ListenAddr = v
	}
}

// truthy mirrors the upstream convention where "False" (any case) and "0"
// disable a flag and anything else enables it.
func truthy(v string) bool {
	switch strings.ToLower(v) {
	case "false", "0", "no", "off", "":
		return false
	}
	return true
}

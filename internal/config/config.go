// Package config loads broker settings from an optional YAML file and environment variables.
package config

import (
	"errors"
	"fmt"
	"slices"
	"strings"
	"time"

	"github.com/spf13/viper"

	"appbroker/internal/logger"
)

// Plugin names the broker knows how to build.
var KnownPlugins = []string{"kubejobs", "kubeapps", "chronos", "sahara", "docker"}

// Config holds all configuration values for the broker.
type Config struct {
	// HTTP server port for the broker API
	HTTPPort int `mapstructure:"http_port"`

	// Plugins enabled at startup; each needs its section below.
	Plugins []string `mapstructure:"plugins"`

	// Bearer token required on the submission API. Empty disables the check.
	APIToken string `mapstructure:"api_token"`

	// Key used to sign per-application callback tokens.
	CallbackSecret string `mapstructure:"callback_secret"`

	// OTLP gRPC collector address; tracing is disabled when empty.
	OTELEndpoint string `mapstructure:"otel_endpoint"`

	Log         logger.Config     `mapstructure:"log"`
	Persistence PersistenceConfig `mapstructure:"persistence"`
	Services    ServicesConfig    `mapstructure:"services"`
	Poll        PollConfig        `mapstructure:"poll"`
	RateLimit   RateLimitConfig   `mapstructure:"rate_limit"`
	Kubernetes  KubernetesConfig  `mapstructure:"kubernetes"`
	Chronos     ChronosConfig     `mapstructure:"chronos"`
	Sahara      SaharaConfig      `mapstructure:"sahara"`
	Docker      DockerConfig      `mapstructure:"docker"`
}

type PersistenceConfig struct {
	Driver        string        `mapstructure:"driver"`
	SQLitePath    string        `mapstructure:"sqlite_path"`
	EtcdEndpoints []string      `mapstructure:"etcd_endpoints"`
	EtcdPrefix    string        `mapstructure:"etcd_prefix"`
	EtcdUsername  string        `mapstructure:"etcd_username"`
	EtcdPassword  string        `mapstructure:"etcd_password"`
	DialTimeout   time.Duration `mapstructure:"dial_timeout"`
	DatabaseURL   string        `mapstructure:"database_url"`
	Migrate       bool          `mapstructure:"migrate"`
}

// ServicesConfig points at the collaborator services.
type ServicesConfig struct {
	MonitorURL    string        `mapstructure:"monitor_url"`
	ControllerURL string        `mapstructure:"controller_url"`
	VisualizerURL string        `mapstructure:"visualizer_url"`
	OptimizerURL  string        `mapstructure:"optimizer_url"`
	DashboardURL  string        `mapstructure:"dashboard_url"`
	RetryMax      int           `mapstructure:"retry_max"`
	Timeout       time.Duration `mapstructure:"timeout"`
}

type PollConfig struct {
	Interval      time.Duration `mapstructure:"interval"`
	NotFoundLimit int           `mapstructure:"not_found_limit"`
}

type RateLimitConfig struct {
	RPS   float64 `mapstructure:"rps"`
	Burst int     `mapstructure:"burst"`
}

type KubernetesConfig struct {
	Kubeconfig     string        `mapstructure:"kubeconfig"`
	Namespace      string        `mapstructure:"namespace"`
	ServiceAccount string        `mapstructure:"service_account"`
	CPULimit       string        `mapstructure:"cpu_limit"`
	MemoryLimit    string        `mapstructure:"memory_limit"`
	RedisImage     string        `mapstructure:"redis_image"`
	RedisTimeout   time.Duration `mapstructure:"redis_timeout"`
	// RedisHost overrides the address the broker dials the work queue on.
	RedisHost string `mapstructure:"redis_host"`
	// NodeHost is the externally reachable node address used for NodePort services.
	NodeHost  string        `mapstructure:"node_host"`
	StopDelay time.Duration `mapstructure:"stop_delay"`
}

type ChronosConfig struct {
	URL           string `mapstructure:"url"`
	Username      string `mapstructure:"username"`
	Password      string `mapstructure:"password"`
	SupervisorURL string `mapstructure:"supervisor_url"`
	// CallbackURL is the broker base URL reachable from Chronos tasks.
	CallbackURL string `mapstructure:"callback_url"`
}

type SaharaConfig struct {
	AuthURL        string        `mapstructure:"auth_url"`
	URL            string        `mapstructure:"url"`
	Username       string        `mapstructure:"username"`
	Password       string        `mapstructure:"password"`
	ProjectID      string        `mapstructure:"project_id"`
	Domain         string        `mapstructure:"domain"`
	PublicKey      string        `mapstructure:"public_key"`
	VCPUsPerWorker int           `mapstructure:"vcpus_per_worker"`
	Timeout        time.Duration `mapstructure:"timeout"`
	ClusterTimeout time.Duration `mapstructure:"cluster_timeout"`
}

type DockerConfig struct {
	Host string `mapstructure:"host"`
	// Platform pins created containers, e.g. linux/amd64.
	Platform string `mapstructure:"platform"`
}

// Load reads configuration from a config file (optional) and environment variables.
// Environment variables take precedence over config file values.
func Load(configPath string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	if configPath != "" {
		v.SetConfigFile(configPath)
	} else {
		v.SetConfigName("broker")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
	}
	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if configPath != "" || !errors.As(err, &notFound) {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	}

	v.SetEnvPrefix("BROKER")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	// Unprefixed names kept for deployments that already export them.
	_ = v.BindEnv("http_port", "BROKER_HTTP_PORT", "PORT")
	_ = v.BindEnv("persistence.database_url", "BROKER_PERSISTENCE_DATABASE_URL", "DATABASE_URL")
	_ = v.BindEnv("otel_endpoint", "BROKER_OTEL_ENDPOINT", "OTEL_EXPORTER_OTLP_ENDPOINT")

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to decode config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("http_port", 1500)
	v.SetDefault("plugins", []string{"kubejobs"})
	v.SetDefault("api_token", "")
	v.SetDefault("callback_secret", "")
	v.SetDefault("otel_endpoint", "")

	v.SetDefault("log.level", "info")
	v.SetDefault("log.file", "")
	v.SetDefault("log.max_size_mb", 100)
	v.SetDefault("log.max_backups", 5)
	v.SetDefault("log.max_age_days", 28)

	v.SetDefault("persistence.driver", "sqlite")
	v.SetDefault("persistence.sqlite_path", "data/broker.db")
	v.SetDefault("persistence.etcd_endpoints", []string{"localhost:2379"})
	v.SetDefault("persistence.etcd_prefix", "/appbroker/snapshots")
	v.SetDefault("persistence.etcd_username", "")
	v.SetDefault("persistence.etcd_password", "")
	v.SetDefault("persistence.dial_timeout", 5*time.Second)
	v.SetDefault("persistence.database_url", "")
	v.SetDefault("persistence.migrate", true)

	v.SetDefault("services.monitor_url", "")
	v.SetDefault("services.controller_url", "")
	v.SetDefault("services.visualizer_url", "")
	v.SetDefault("services.optimizer_url", "")
	v.SetDefault("services.dashboard_url", "")
	v.SetDefault("services.retry_max", 2)
	v.SetDefault("services.timeout", 10*time.Second)

	v.SetDefault("poll.interval", time.Second)
	v.SetDefault("poll.not_found_limit", 5)

	v.SetDefault("rate_limit.rps", 5.0)
	v.SetDefault("rate_limit.burst", 10)

	v.SetDefault("kubernetes.kubeconfig", "")
	v.SetDefault("kubernetes.namespace", "default")
	v.SetDefault("kubernetes.service_account", "")
	v.SetDefault("kubernetes.cpu_limit", "500m")
	v.SetDefault("kubernetes.memory_limit", "512Mi")
	v.SetDefault("kubernetes.redis_image", "redis:7")
	v.SetDefault("kubernetes.redis_timeout", 2*time.Minute)
	v.SetDefault("kubernetes.redis_host", "")
	v.SetDefault("kubernetes.node_host", "")
	v.SetDefault("kubernetes.stop_delay", 0)

	v.SetDefault("chronos.url", "")
	v.SetDefault("chronos.username", "")
	v.SetDefault("chronos.password", "")
	v.SetDefault("chronos.supervisor_url", "")
	v.SetDefault("chronos.callback_url", "")

	v.SetDefault("sahara.auth_url", "")
	v.SetDefault("sahara.url", "")
	v.SetDefault("sahara.username", "")
	v.SetDefault("sahara.password", "")
	v.SetDefault("sahara.project_id", "")
	v.SetDefault("sahara.domain", "Default")
	v.SetDefault("sahara.public_key", "")
	v.SetDefault("sahara.vcpus_per_worker", 2)
	v.SetDefault("sahara.timeout", time.Hour)
	v.SetDefault("sahara.cluster_timeout", 20*time.Minute)

	v.SetDefault("docker.host", "")
	v.SetDefault("docker.platform", "")
}

// Validate checks that the enabled plugins and the persistence driver have
// what they need.
func (c *Config) Validate() error {
	if len(c.Plugins) == 0 {
		return errors.New("plugins is required (env: BROKER_PLUGINS)")
	}
	for _, p := range c.Plugins {
		if !slices.Contains(KnownPlugins, p) {
			return fmt.Errorf("unknown plugin %q (valid: %s)", p, strings.Join(KnownPlugins, ", "))
		}
	}

	switch c.Persistence.Driver {
	case "memory":
	case "sqlite":
		if c.Persistence.SQLitePath == "" {
			return required("persistence.sqlite_path")
		}
	case "etcd":
		if len(c.Persistence.EtcdEndpoints) == 0 {
			return required("persistence.etcd_endpoints")
		}
	case "postgres":
		if c.Persistence.DatabaseURL == "" {
			return required("persistence.database_url")
		}
	default:
		return fmt.Errorf("invalid persistence.driver %q (valid: memory, sqlite, etcd, postgres)", c.Persistence.Driver)
	}

	if c.Poll.Interval <= 0 {
		return errors.New("poll.interval must be positive")
	}

	if c.Enabled("chronos") {
		if c.Chronos.URL == "" {
			return required("chronos.url")
		}
		if c.CallbackSecret == "" {
			return required("callback_secret")
		}
	}
	if c.Enabled("sahara") {
		for key, val := range map[string]string{
			"sahara.auth_url":   c.Sahara.AuthURL,
			"sahara.url":        c.Sahara.URL,
			"sahara.username":   c.Sahara.Username,
			"sahara.project_id": c.Sahara.ProjectID,
		} {
			if val == "" {
				return required(key)
			}
		}
		if c.Sahara.VCPUsPerWorker <= 0 {
			return errors.New("sahara.vcpus_per_worker must be positive")
		}
	}
	return nil
}

// Enabled reports whether a plugin is in the configured list.
func (c *Config) Enabled(plugin string) bool {
	return slices.Contains(c.Plugins, plugin)
}

func required(key string) error {
	env := "BROKER_" + strings.ToUpper(strings.ReplaceAll(key, ".", "_"))
	return fmt.Errorf("%s is required (env: %s)", key, env)
}

package config

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/robfig/cron/v3"
	"gopkg.in/yaml.v3"
)

// Config models smarter.yml. Secrets (JWT signing key, secrets key) are
// never read from the file; they come from flags or SMARTER_* variables.
type Config struct {
	Server struct {
		Addr     string `yaml:"addr"`
		BasePath string `yaml:"base_path"`
		Debug    bool   `yaml:"debug"`
		CORS     struct {
			AllowedOrigins []string `yaml:"allowed_origins"`
		} `yaml:"cors"`
	} `yaml:"server"`
	Database struct {
		Driver string `yaml:"driver"`
		DSN    string `yaml:"dsn"`
	} `yaml:"database"`
	Auth struct {
		JWTIssuer       string        `yaml:"jwt_issuer"`
		JWTAudience     string        `yaml:"jwt_audience"`
		APIKeyCacheSize int           `yaml:"api_key_cache_size"`
		APIKeyCacheTTL  time.Duration `yaml:"api_key_cache_ttl"`
	} `yaml:"auth"`
	Platform struct {
		RootDomain string `yaml:"root_domain"`
	} `yaml:"platform"`
	Tasks struct {
		Workers      int           `yaml:"workers"`
		PollInterval time.Duration `yaml:"poll_interval"`
		Lease        time.Duration `yaml:"lease"`
		Backoff      time.Duration `yaml:"backoff"`
		MaxAttempts  int           `yaml:"max_attempts"`
	} `yaml:"tasks"`
	Reconcile struct {
		Schedule string `yaml:"schedule"`
	} `yaml:"reconcile"`
	Provisioner struct {
		Driver     string `yaml:"driver"`
		Kubeconfig string `yaml:"kubeconfig"`
		Namespace  string `yaml:"namespace"`
	} `yaml:"provisioner"`
	Journal struct {
		Buffer        int           `yaml:"buffer"`
		BatchSize     int           `yaml:"batch_size"`
		FlushInterval time.Duration `yaml:"flush_interval"`
	} `yaml:"journal"`
}

// Provisioner drivers.
const (
	ProvisionerLocal      = "local"
	ProvisionerKubernetes = "kubernetes"
)

// Load reads and validates config from workspace.
func Load(workspace string) (*Config, error) {
	path := Path(workspace)
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("config %s not found; create one with smarter config init", path)
		}
		return nil, err
	}
	return FromYAML(data)
}

// LoadOptional returns the default config if the file does not exist.
func LoadOptional(workspace string) (*Config, error) {
	data, err := os.ReadFile(Path(workspace))
	if err != nil {
		if os.IsNotExist(err) {
			return Default(), nil
		}
		return nil, err
	}
	return FromYAML(data)
}

// Validate ensures the config meets required structure.
func (c *Config) Validate() error {
	if c.Server.Addr == "" {
		return fmt.Errorf("config.server.addr is required")
	}
	if !strings.HasPrefix(c.Server.BasePath, "/") {
		return fmt.Errorf("config.server.base_path must start with /")
	}
	switch strings.ToLower(c.Database.Driver) {
	case "", "sqlite":
	case "postgres", "postgresql", "pgx":
		if c.Database.DSN == "" {
			return fmt.Errorf("config.database.dsn is required for %s", c.Database.Driver)
		}
	default:
		return fmt.Errorf("config.database.driver %q not supported", c.Database.Driver)
	}
	if c.Auth.APIKeyCacheSize < 0 {
		return fmt.Errorf("config.auth.api_key_cache_size must not be negative")
	}
	if c.Platform.RootDomain == "" {
		return fmt.Errorf("config.platform.root_domain is required")
	}
	if c.Tasks.Workers < 1 {
		return fmt.Errorf("config.tasks.workers must be at least 1")
	}
	if c.Tasks.MaxAttempts < 1 {
		return fmt.Errorf("config.tasks.max_attempts must be at least 1")
	}
	if c.Tasks.Lease <= 0 {
		return fmt.Errorf("config.tasks.lease must be positive")
	}
	if c.Reconcile.Schedule != "" {
		if _, err := cron.ParseStandard(c.Reconcile.Schedule); err != nil {
			return fmt.Errorf("config.reconcile.schedule: %w", err)
		}
	}
	switch c.Provisioner.Driver {
	case ProvisionerLocal:
	case ProvisionerKubernetes:
		if c.Provisioner.Namespace == "" {
			return fmt.Errorf("config.provisioner.namespace is required for kubernetes")
		}
	default:
		return fmt.Errorf("config.provisioner.driver must be %s or %s", ProvisionerLocal, ProvisionerKubernetes)
	}
	if c.Journal.Buffer < 0 || c.Journal.BatchSize < 0 {
		return fmt.Errorf("config.journal sizes must not be negative")
	}
	return nil
}

// Path returns the config file path for a workspace.
func Path(workspace string) string {
	if workspace == "" {
		workspace = "."
	}
	return filepath.Join(workspace, "smarter.yml")
}

// GenerateDefault returns default config YAML.
func GenerateDefault() string {
	return defaultTemplate
}

// Default returns the default Config.
func Default() *Config {
	var cfg Config
	_ = yaml.NewDecoder(bytes.NewBufferString(defaultTemplate)).Decode(&cfg)
	return &cfg
}

// FromYAML parses config from raw YAML bytes on top of the defaults, then
// validates it.
func FromYAML(data []byte) (*Config, error) {
	cfg := Default()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("invalid config yaml: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// FromFile reads YAML config from the given path.
func FromFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return FromYAML(data)
}

const defaultTemplate = `server:
  addr: 127.0.0.1:8080
  base_path: /api/v1
  debug: false
  cors:
    allowed_origins: []

database:
  driver: sqlite
  dsn: ""

auth:
  jwt_issuer: smarter
  jwt_audience: ""
  api_key_cache_size: 1024
  api_key_cache_ttl: 5m

platform:
  root_domain: smarter.local

tasks:
  workers: 2
  poll_interval: 1s
  lease: 1m
  backoff: 2s
  max_attempts: 5

reconcile:
  schedule: "@every 30s"

provisioner:
  driver: local
  kubeconfig: ""
  namespace: smarter

journal:
  buffer: 1024
  batch_size: 100
  flush_interval: 1s
`

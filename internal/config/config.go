// Package config handles configuration loading for the MSH server.
//
// Configuration is loaded from a YAML file with support for environment
// variable expansion (${VAR} or $VAR syntax). This allows sensitive values
// like database credentials to be injected at runtime.
//
// # Configuration Sections
//
//   - server: HTTP listeners for ebMS messages and administration
//   - storage: message unit storage provider and its settings
//   - reliability: scheduler, sender and shutdown timing
//   - backend: delivery of received messages to the business application
//   - logging: level and format
//   - observability: metrics endpoint
//   - pmodes / pmodeFile: the processing modes
//
// # Example Configuration
//
//	server:
//	  address: ":8443"
//	  adminAddress: "127.0.0.1:9090"
//	  tls:
//	    enabled: true
//	    certFile: /etc/ssl/msh.crt
//	    keyFile: /etc/ssl/msh.key
//
//	storage:
//	  provider: mongodb
//	  settings:
//	    uri: ${MONGODB_URI}
//	    database: msh
//
//	reliability:
//	  retryInterval: 5s
//
//	backend:
//	  directory: /var/spool/msh/in
//	  compress: true
//
//	pmodeFile: /etc/msh/pmodes.yaml
//
// See [Load] for loading configuration from a file.
package config

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/sirosfoundation/go-msh/pkg/pmode"
	"github.com/sirosfoundation/go-msh/pkg/storage"
)

// Config is the root configuration structure
type Config struct {
	Server        ServerConfig            `yaml:"server"`
	Storage       StorageConfig           `yaml:"storage"`
	Reliability   ReliabilityConfig       `yaml:"reliability"`
	Backend       BackendConfig           `yaml:"backend"`
	Logging       LoggingConfig           `yaml:"logging"`
	Observability ObservabilityConfig     `yaml:"observability"`
	PModes        []*pmode.ProcessingMode `yaml:"pmodes"`
	PModeFile     string                  `yaml:"pmodeFile"`
}

// ServerConfig holds HTTP server settings
type ServerConfig struct {
	// Address of the ebMS endpoint
	Address string `yaml:"address"`
	Path    string `yaml:"path"`
	// AdminAddress serves health, readiness, metrics and message lookup.
	// Empty disables the admin server.
	AdminAddress string `yaml:"adminAddress"`
	AdminKey     string `yaml:"adminKey"` // API key for the message lookup
	TLS          struct {
		Enabled  bool   `yaml:"enabled"`
		CertFile string `yaml:"certFile"`
		KeyFile  string `yaml:"keyFile"`
		CAFile   string `yaml:"caFile"`
	} `yaml:"tls"`
	ClientTimeout time.Duration `yaml:"clientTimeout"`
}

// StorageConfig selects the storage provider
type StorageConfig struct {
	// Provider is the registered provider name: memory, sqlite or mongodb
	Provider string           `yaml:"provider"`
	Settings storage.Settings `yaml:"settings"`
}

// ReliabilityConfig holds the timing of the background workers
type ReliabilityConfig struct {
	RetryInterval time.Duration `yaml:"retryInterval"`
	SendInterval  time.Duration `yaml:"sendInterval"`
	SendBatchSize int           `yaml:"sendBatchSize"`
	PullInterval  time.Duration `yaml:"pullInterval"`
	ShutdownGrace time.Duration `yaml:"shutdownGrace"`
}

// BackendConfig configures delivery to the business application
type BackendConfig struct {
	// Directory receives one file per delivered message unit
	Directory string `yaml:"directory"`
	Compress  bool   `yaml:"compress"`
}

// LoggingConfig holds logging settings
type LoggingConfig struct {
	Level  string `yaml:"level"`  // debug, info, warn, error
	Format string `yaml:"format"` // text or json
}

// ObservabilityConfig holds observability settings
type ObservabilityConfig struct {
	Metrics struct {
		Enabled bool   `yaml:"enabled"`
		Path    string `yaml:"path"`
	} `yaml:"metrics"`
}

// Load reads configuration from a YAML file
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}
	return Parse(data)
}

// Parse reads configuration from YAML data
func Parse(data []byte) (*Config, error) {
	// Expand environment variables
	expanded := os.ExpandEnv(string(data))

	var cfg Config
	if err := yaml.Unmarshal([]byte(expanded), &cfg); err != nil {
		return nil, fmt.Errorf("parsing config file: %w", err)
	}

	cfg.applyDefaults()

	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}

	return &cfg, nil
}

// Default returns the configuration used when no file is given
func Default() *Config {
	var cfg Config
	cfg.applyDefaults()
	return &cfg
}

func (c *Config) applyDefaults() {
	if c.Server.Address == "" {
		c.Server.Address = ":8080"
	}
	if c.Server.Path == "" {
		c.Server.Path = "/msh"
	}
	if c.Server.ClientTimeout == 0 {
		c.Server.ClientTimeout = 30 * time.Second
	}
	if c.Storage.Provider == "" {
		c.Storage.Provider = "memory"
	}
	if c.Reliability.RetryInterval == 0 {
		c.Reliability.RetryInterval = 5 * time.Second
	}
	if c.Reliability.SendInterval == 0 {
		c.Reliability.SendInterval = 5 * time.Second
	}
	if c.Reliability.SendBatchSize == 0 {
		c.Reliability.SendBatchSize = 50
	}
	if c.Reliability.PullInterval == 0 {
		c.Reliability.PullInterval = 5 * time.Second
	}
	if c.Reliability.ShutdownGrace == 0 {
		c.Reliability.ShutdownGrace = 10 * time.Second
	}
	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
	if c.Logging.Format == "" {
		c.Logging.Format = "text"
	}
	if c.Observability.Metrics.Path == "" {
		c.Observability.Metrics.Path = "/metrics"
	}
}

func (c *Config) validate() error {
	if c.Server.TLS.Enabled && (c.Server.TLS.CertFile == "" || c.Server.TLS.KeyFile == "") {
		return fmt.Errorf("server.tls.certFile and server.tls.keyFile are required when TLS is enabled")
	}

	switch c.Logging.Format {
	case "text", "json":
		// Valid formats
	default:
		return fmt.Errorf("logging.format must be 'text' or 'json', got '%s'", c.Logging.Format)
	}
	if _, err := c.Logging.SlogLevel(); err != nil {
		return err
	}

	if c.Reliability.RetryInterval < 0 || c.Reliability.SendInterval < 0 ||
		c.Reliability.PullInterval < 0 || c.Reliability.ShutdownGrace < 0 {
		return fmt.Errorf("reliability intervals must not be negative")
	}

	for i, p := range c.PModes {
		if p == nil {
			return fmt.Errorf("pmodes[%d] is empty", i)
		}
		if err := p.Validate(); err != nil {
			return fmt.Errorf("pmodes[%d]: %w", i, err)
		}
	}
	return nil
}

// SlogLevel returns the configured log level
func (l LoggingConfig) SlogLevel() (slog.Level, error) {
	var level slog.Level
	if err := level.UnmarshalText([]byte(l.Level)); err != nil {
		return slog.LevelInfo, fmt.Errorf("logging.level: %w", err)
	}
	return level, nil
}

// NewLogger creates the logger described by the configuration
func (l LoggingConfig) NewLogger(w io.Writer) *slog.Logger {
	level, _ := l.SlogLevel()
	opts := &slog.HandlerOptions{Level: level}
	if l.Format == "json" {
		return slog.New(slog.NewJSONHandler(w, opts))
	}
	return slog.New(slog.NewTextHandler(w, opts))
}

// LoadPModes returns the configured P-Modes: the inline list followed by
// the contents of pmodeFile
func (c *Config) LoadPModes() ([]*pmode.ProcessingMode, error) {
	pmodes := append([]*pmode.ProcessingMode(nil), c.PModes...)
	if c.PModeFile != "" {
		loaded, err := pmode.LoadFile(c.PModeFile)
		if err != nil {
			return nil, err
		}
		pmodes = append(pmodes, loaded...)
	}
	seen := make(map[string]bool, len(pmodes))
	for _, p := range pmodes {
		if seen[p.ID] {
			return nil, fmt.Errorf("duplicate P-Mode id %q", p.ID)
		}
		seen[p.ID] = true
	}
	return pmodes, nil
}

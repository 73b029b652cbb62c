package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"
)

const (
	defaultPort          = 5000
	defaultDomain        = "sourcegraph.com"
	defaultAPIVersion    = "2"
	defaultClientName    = "web"
	defaultClientVersion = "0.0.1"
	defaultReadTimeout   = 5 * time.Minute
	defaultLogLevel      = "info"
	defaultLogFormat     = "text"
)

// Viper keys that may override file values from flags or the environment.
const (
	KeyServerPort     = "server.port"
	KeyUpstreamDomain = "upstream.domain"
	KeyLogLevel       = "log.level"
	KeyLogFormat      = "log.format"
)

// Config represents the application configuration.
type Config struct {
	Server   ServerConfig   `yaml:"server"`
	Upstream UpstreamConfig `yaml:"upstream"`
	Log      LogConfig      `yaml:"log"`
}

// ServerConfig defines listener configuration.
type ServerConfig struct {
	Port int `yaml:"port"`
}

// UpstreamConfig describes the Sourcegraph instance requests are forwarded to.
type UpstreamConfig struct {
	Domain        string        `yaml:"domain"`
	URL           string        `yaml:"url"`
	APIVersion    string        `yaml:"api_version"`
	ClientName    string        `yaml:"client_name"`
	ClientVersion string        `yaml:"client_version"`
	ReadTimeout   time.Duration `yaml:"read_timeout"`
	Headers       Headers       `yaml:"headers"`
}

// Headers contains additional HTTP headers to send with every upstream request.
type Headers map[string]string

// LogConfig selects the slog handler.
type LogConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// BaseURL returns the scheme and host of the upstream instance. URL, when set,
// takes precedence over Domain.
func (u UpstreamConfig) BaseURL() string {
	if u.URL != "" {
		return strings.TrimRight(u.URL, "/")
	}
	return "https://" + u.Domain
}

// Default returns the configuration used when nothing is overridden.
func Default() Config {
	return Config{
		Server: ServerConfig{Port: defaultPort},
		Upstream: UpstreamConfig{
			Domain:        defaultDomain,
			APIVersion:    defaultAPIVersion,
			ClientName:    defaultClientName,
			ClientVersion: defaultClientVersion,
			ReadTimeout:   defaultReadTimeout,
		},
		Log: LogConfig{
			Level:  defaultLogLevel,
			Format: defaultLogFormat,
		},
	}
}

// Load builds the configuration from defaults, an optional YAML file and the
// overrides registered on v. An empty path skips the file.
func Load(path string, v *viper.Viper) (Config, error) {
	cfg := Default()

	if path != "" {
		if err := readFile(path, &cfg); err != nil {
			return Config{}, err
		}
	}

	if v != nil {
		applyOverrides(&cfg, v)
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func readFile(path string, cfg *Config) error {
	absPath, err := filepath.Abs(path)
	if err != nil {
		return fmt.Errorf("resolve config path: %w", err)
	}

	data, err := os.ReadFile(absPath)
	if err != nil {
		return fmt.Errorf("read config file %q: %w", absPath, err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return fmt.Errorf("parse config file %q: %w", absPath, err)
	}
	return nil
}

// applyOverrides copies only values explicitly set through flags or the
// environment; viper defaults never shadow the file.
func applyOverrides(cfg *Config, v *viper.Viper) {
	if v.IsSet(KeyServerPort) {
		cfg.Server.Port = v.GetInt(KeyServerPort)
	}
	if v.IsSet(KeyUpstreamDomain) {
		cfg.Upstream.Domain = v.GetString(KeyUpstreamDomain)
	}
	if v.IsSet(KeyLogLevel) {
		cfg.Log.Level = v.GetString(KeyLogLevel)
	}
	if v.IsSet(KeyLogFormat) {
		cfg.Log.Format = v.GetString(KeyLogFormat)
	}
}

// Validate performs strict sanity checks on the configuration.
func (c Config) Validate() error {
	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		return fmt.Errorf("server.port must be a valid TCP port, got %d", c.Server.Port)
	}

	if err := c.Upstream.validate(); err != nil {
		return err
	}

	switch strings.ToLower(c.Log.Level) {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("log.level %q must be one of debug, info, warn, error", c.Log.Level)
	}
	switch strings.ToLower(c.Log.Format) {
	case "text", "json":
	default:
		return fmt.Errorf("log.format %q must be text or json", c.Log.Format)
	}

	return nil
}

func (u UpstreamConfig) validate() error {
	if u.URL != "" {
		if !strings.HasPrefix(u.URL, "http://") && !strings.HasPrefix(u.URL, "https://") {
			return fmt.Errorf("upstream.url %q must start with http:// or https://", u.URL)
		}
	}
	domain := strings.TrimSpace(u.Domain)
	if domain == "" {
		return errors.New("upstream.domain must be provided")
	}
	if strings.Contains(domain, "://") || strings.ContainsAny(domain, "/ ") {
		return fmt.Errorf("upstream.domain %q must be a bare host name", u.Domain)
	}
	if strings.TrimSpace(u.APIVersion) == "" {
		return errors.New("upstream.api_version must be provided")
	}
	if strings.TrimSpace(u.ClientName) == "" {
		return errors.New("upstream.client_name must be provided")
	}
	if u.ReadTimeout < 0 {
		return fmt.Errorf("upstream.read_timeout must not be negative, got %s", u.ReadTimeout)
	}

	for headerKey := range u.Headers {
		if !isCanonicalHTTPHeader(headerKey) {
			return fmt.Errorf("upstream: header %q is not a valid canonical HTTP header", headerKey)
		}
	}
	return nil
}

func isCanonicalHTTPHeader(header string) bool {
	if header == "" {
		return false
	}

	for _, r := range header {
		if !(r == '-' || (r >= 'A' && r <= 'Z') || (r >= 'a' && r <= 'z')) {
			return false
		}
	}
	return true
}

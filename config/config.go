// Config module - gateway settings loaded from YAML and environment

package config

import (
	"errors"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"

	"go.uber.org/zap/zapcore"
	"gopkg.in/yaml.v3"
)

// ErrInvalid is wrapped by every validation failure.
var ErrInvalid = errors.New("invalid config")

// Config holds everything the gateway needs at startup.
type Config struct {
	Listen            string            `yaml:"listen"`
	Backend           string            `yaml:"backend"`
	Root              string            `yaml:"root"`
	ProxyPrefixes     []string          `yaml:"proxy_prefixes"`
	LegacyPrefixMatch bool              `yaml:"legacy_prefix_match"`
	ExtraMIMETypes    map[string]string `yaml:"extra_mime_types,omitempty"`

	FlushInterval         string `yaml:"flush_interval"`
	DialTimeout           string `yaml:"dial_timeout"`
	ResponseHeaderTimeout string `yaml:"response_header_timeout"`
	ShutdownTimeout       string `yaml:"shutdown_timeout"`

	// Journal is the path of the SQLite request journal. Empty disables it.
	Journal string `yaml:"journal"`

	Log            LogConfig     `yaml:"log"`
	BackendCommand CommandConfig `yaml:"backend_command"`
}

// LogConfig configures the zap logger.
type LogConfig struct {
	Level  string `yaml:"level"`  // debug, info, warn, error
	Format string `yaml:"format"` // console, json
}

// ZapLevel parses Level. Empty means info; only debug, info, warn and error
// are accepted.
func (l LogConfig) ZapLevel() (zapcore.Level, error) {
	switch strings.ToLower(strings.TrimSpace(l.Level)) {
	case "":
		return zapcore.InfoLevel, nil
	case "debug":
		return zapcore.DebugLevel, nil
	case "info":
		return zapcore.InfoLevel, nil
	case "warn":
		return zapcore.WarnLevel, nil
	case "error":
		return zapcore.ErrorLevel, nil
	}
	return zapcore.InfoLevel, fmt.Errorf("%w: unknown log level %q", ErrInvalid, l.Level)
}

// CommandConfig describes an optional backend process launched by serve.
type CommandConfig struct {
	Command string   `yaml:"command"`
	Args    []string `yaml:"args,omitempty"`
	Dir     string   `yaml:"dir,omitempty"`
	Env     []string `yaml:"env,omitempty"`
	Pty     bool     `yaml:"pty"`
}

// Enabled reports whether a backend command was configured.
func (c CommandConfig) Enabled() bool {
	return strings.TrimSpace(c.Command) != ""
}

// DefaultConfig mirrors the development server defaults: port 8082, backend on 5000,
// current directory as document root.
func DefaultConfig() *Config {
	return &Config{
		Listen:                ":8082",
		Backend:               "http://localhost:5000",
		Root:                  ".",
		ProxyPrefixes:         []string{"/api/", "/video/"},
		FlushInterval:         "100ms",
		DialTimeout:           "0s",
		ResponseHeaderTimeout: "0s",
		ShutdownTimeout:       "5s",
		Log: LogConfig{
			Level:  "info",
			Format: "console",
		},
	}
}

// Load reads configuration from a YAML file on top of the defaults and then
// applies environment overrides. A missing file is not an error.
func Load(path string) (*Config, error) {
	cfg := DefaultConfig()

	if path != "" {
		data, err := os.ReadFile(path)
		switch {
		case err == nil:
			if err := yaml.Unmarshal(data, cfg); err != nil {
				return nil, fmt.Errorf("failed to parse config %s: %w", path, err)
			}
		case errors.Is(err, os.ErrNotExist):
		default:
			return nil, fmt.Errorf("failed to read config: %w", err)
		}
	}

	cfg.applyEnvOverrides()
	return cfg, nil
}

// Save writes the configuration as YAML.
func (c *Config) Save(path string) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	data, err := c.Marshal()
	if err != nil {
		return err
	}

	if err := os.WriteFile(path, data, 0644); err != nil {
		return fmt.Errorf("failed to write config: %w", err)
	}
	return nil
}

// Marshal renders the configuration as YAML.
func (c *Config) Marshal() ([]byte, error) {
	data, err := yaml.Marshal(c)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal config: %w", err)
	}
	return data, nil
}

func (c *Config) applyEnvOverrides() {
	if v := os.Getenv("ANIMGATE_LISTEN"); v != "" {
		c.Listen = v
	}
	if v := os.Getenv("ANIMGATE_BACKEND"); v != "" {
		c.Backend = v
	}
	if v := os.Getenv("ANIMGATE_ROOT"); v != "" {
		c.Root = v
	}
	if v := os.Getenv("ANIMGATE_JOURNAL"); v != "" {
		c.Journal = v
	}
	if v := os.Getenv("ANIMGATE_LOG_LEVEL"); v != "" {
		c.Log.Level = v
	}
}

// Validate checks every field and normalizes Root to an absolute path.
func (c *Config) Validate() error {
	if strings.TrimSpace(c.Listen) == "" {
		return fmt.Errorf("%w: listen address is empty", ErrInvalid)
	}
	if _, err := c.BackendURL(); err != nil {
		return err
	}
	if len(c.ProxyPrefixes) == 0 {
		return fmt.Errorf("%w: proxy_prefixes must not be empty", ErrInvalid)
	}
	for _, p := range c.ProxyPrefixes {
		if strings.Trim(p, "/ ") == "" {
			return fmt.Errorf("%w: proxy prefix %q is empty", ErrInvalid, p)
		}
	}
	for ext, ct := range c.ExtraMIMETypes {
		if !strings.HasPrefix(ext, ".") || len(ext) < 2 {
			return fmt.Errorf("%w: mime extension %q must start with a dot", ErrInvalid, ext)
		}
		if strings.TrimSpace(ct) == "" {
			return fmt.Errorf("%w: mime type for %q is empty", ErrInvalid, ext)
		}
	}

	durations := map[string]string{
		"flush_interval":          c.FlushInterval,
		"dial_timeout":            c.DialTimeout,
		"response_header_timeout": c.ResponseHeaderTimeout,
		"shutdown_timeout":        c.ShutdownTimeout,
	}
	for name, v := range durations {
		if _, err := parseDuration(v); err != nil {
			return fmt.Errorf("%w: %s: %v", ErrInvalid, name, err)
		}
	}

	if _, err := c.Log.ZapLevel(); err != nil {
		return err
	}
	switch strings.ToLower(c.Log.Format) {
	case "", "console", "json":
	default:
		return fmt.Errorf("%w: unknown log format %q", ErrInvalid, c.Log.Format)
	}

	root := c.Root
	if root == "" {
		root = "."
	}
	abs, err := filepath.Abs(root)
	if err != nil {
		return fmt.Errorf("%w: root: %v", ErrInvalid, err)
	}
	c.Root = abs
	return nil
}

// BackendURL parses the backend address. A bare host:port is accepted and
// treated as http.
func (c *Config) BackendURL() (*url.URL, error) {
	raw := strings.TrimSpace(c.Backend)
	if raw == "" {
		return nil, fmt.Errorf("%w: backend address is empty", ErrInvalid)
	}
	if !strings.Contains(raw, "://") {
		raw = "http://" + raw
	}
	u, err := url.Parse(raw)
	if err != nil {
		return nil, fmt.Errorf("%w: backend: %v", ErrInvalid, err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return nil, fmt.Errorf("%w: backend scheme %q not supported", ErrInvalid, u.Scheme)
	}
	if u.Host == "" {
		return nil, fmt.Errorf("%w: backend host is empty", ErrInvalid)
	}
	return u, nil
}

// FlushIntervalDuration and the helpers below return parsed durations.
// Validate must have succeeded first.
func (c *Config) FlushIntervalDuration() time.Duration {
	d, _ := parseDuration(c.FlushInterval)
	return d
}

func (c *Config) DialTimeoutDuration() time.Duration {
	d, _ := parseDuration(c.DialTimeout)
	return d
}

func (c *Config) ResponseHeaderTimeoutDuration() time.Duration {
	d, _ := parseDuration(c.ResponseHeaderTimeout)
	return d
}

func (c *Config) ShutdownTimeoutDuration() time.Duration {
	d, _ := parseDuration(c.ShutdownTimeout)
	return d
}

// parseDuration accepts Go duration strings plus "-1" for flush-on-every-write.
func parseDuration(s string) (time.Duration, error) {
	s = strings.TrimSpace(s)
	switch s {
	case "", "0":
		return 0, nil
	case "-1":
		return -1, nil
	}
	return time.ParseDuration(s)
}

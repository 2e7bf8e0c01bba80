// Package config loads daemon configuration from layered sources: built-in
// defaults, an optional YAML file, AGENTBUS_* environment variables, and
// explicit flag overrides, in increasing precedence.
package config

import (
	"bufio"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/confmap"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"
)

// EnvPrefix namespaces the daemon's environment variables.
const EnvPrefix = "AGENTBUS_"

// Environments the daemon can run in.
const (
	EnvDev  = "dev"
	EnvTest = "test"
	EnvLive = "live"
)

// Config is the daemon's full runtime configuration.
type Config struct {
	Environment string `koanf:"environment"`

	APIURL            string        `koanf:"api_url"`
	ProjectKey        string        `koanf:"project_key"`
	MachineID         string        `koanf:"machine_id"`
	HeartbeatInterval time.Duration `koanf:"heartbeat_interval"`
	DebugAddr         string        `koanf:"debug_addr"` // metrics/health listener, empty = disabled

	Discovery DiscoveryConfig `koanf:"discovery"`
	Security  SecurityConfig  `koanf:"security"`
	Audit     AuditConfig     `koanf:"audit"`
	Delivery  DeliveryConfig  `koanf:"delivery"`
	Log       LogConfig       `koanf:"log"`
}

// DiscoveryConfig controls local session scanning.
type DiscoveryConfig struct {
	Root     string        `koanf:"root"`     // tool home, default ~/.claude
	Interval time.Duration `koanf:"interval"` // polling cadence
}

// SecurityConfig controls the per-message security pipeline.
type SecurityConfig struct {
	JWTSecret           string        `koanf:"jwt_secret"`
	JWTExpiry           time.Duration `koanf:"jwt_expiry"`
	JWTRotationInterval time.Duration `koanf:"jwt_rotation_interval"`
	MessagesPerMinute   int           `koanf:"messages_per_minute"`
	CommandsPerMinute   int           `koanf:"commands_per_minute"`
	AllowedDirectories  []string      `koanf:"allowed_directories"`
}

// AuditConfig controls audit batching and the durable spool.
type AuditConfig struct {
	BatchSize     int           `koanf:"batch_size"`
	FlushInterval time.Duration `koanf:"flush_interval"`
	SpoolPath     string        `koanf:"spool_path"`
}

// DeliveryConfig bounds concurrent push deliveries.
type DeliveryConfig struct {
	MaxInflight int `koanf:"max_inflight"`
	QueueSize   int `koanf:"queue_size"`
}

// LogConfig controls log output.
type LogConfig struct {
	Level  string `koanf:"level"`
	Format string `koanf:"format"` // auto, text, json
}

func defaults() map[string]any {
	return map[string]any{
		"environment":        EnvDev,
		"heartbeat_interval": "30s",

		"discovery.root":     defaultToolHome(),
		"discovery.interval": "5s",

		"security.jwt_expiry":            "24h",
		"security.jwt_rotation_interval": "15m",
		"security.messages_per_minute":   60,
		"security.commands_per_minute":   10,

		"audit.batch_size":     50,
		"audit.flush_interval": "30s",

		"delivery.max_inflight": 64,
		"delivery.queue_size":   256,

		"log.level":  "info",
		"log.format": "auto",
	}
}

// environmentOverlay tweaks defaults per environment. Applied after base
// defaults, before the file and env layers.
func environmentOverlay(environment string) map[string]any {
	switch environment {
	case EnvDev:
		return map[string]any{"log.level": "debug"}
	case EnvTest:
		return map[string]any{
			"log.level":          "warn",
			"heartbeat_interval": "1s",
			"discovery.interval": "1s",
		}
	default:
		return nil
	}
}

// DefaultPath is the conventional config file location.
func DefaultPath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return filepath.Join(".config", "agentbus", "config.yaml")
	}
	return filepath.Join(home, ".config", "agentbus", "config.yaml")
}

func defaultToolHome() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ".claude"
	}
	return filepath.Join(home, ".claude")
}

// Load builds a Config from defaults, the YAML file at path (skipped when
// empty or missing), AGENTBUS_* environment variables, and finally the
// overrides map (dotted koanf keys, typically from flags).
func Load(path string, overrides map[string]any) (*Config, error) {
	k := koanf.New(".")

	if err := k.Load(confmap.Provider(defaults(), "."), nil); err != nil {
		return nil, fmt.Errorf("load defaults: %w", err)
	}

	// The environment may itself come from any layer, so resolve it first
	// from env/overrides before applying the overlay.
	environment := k.String("environment")
	if v := os.Getenv(EnvPrefix + "ENVIRONMENT"); v != "" {
		environment = v
	}
	if v, ok := overrides["environment"].(string); ok && v != "" {
		environment = v
	}
	if overlay := environmentOverlay(environment); overlay != nil {
		if err := k.Load(confmap.Provider(overlay, "."), nil); err != nil {
			return nil, fmt.Errorf("load environment overlay: %w", err)
		}
	}

	if path != "" {
		if err := k.Load(file.Provider(path), yaml.Parser()); err != nil {
			if !os.IsNotExist(err) {
				return nil, fmt.Errorf("load config file %s: %w", path, err)
			}
		}
	}

	// A config file may carry per-environment sections under "environments";
	// the selected one merges over the file's top-level values.
	if sub := k.Cut("environments." + environment); len(sub.Keys()) > 0 {
		if err := k.Merge(sub); err != nil {
			return nil, fmt.Errorf("merge environment %s: %w", environment, err)
		}
	}
	k.Delete("environments")

	// AGENTBUS_API_URL -> api_url, AGENTBUS_SECURITY__JWT_SECRET ->
	// security.jwt_secret. A double underscore separates nesting levels so
	// single underscores survive inside key names.
	if err := k.Load(env.Provider(EnvPrefix, ".", func(s string) string {
		return strings.ReplaceAll(strings.ToLower(strings.TrimPrefix(s, EnvPrefix)), "__", ".")
	}), nil); err != nil {
		return nil, fmt.Errorf("load environment: %w", err)
	}

	if len(overrides) > 0 {
		if err := k.Load(confmap.Provider(overrides, "."), nil); err != nil {
			return nil, fmt.Errorf("load overrides: %w", err)
		}
	}

	var cfg Config
	if err := k.Unmarshal("", &cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate checks required fields and value ranges.
func (c *Config) Validate() error {
	if c.APIURL == "" {
		return fmt.Errorf("api_url is required")
	}
	if c.ProjectKey == "" {
		return fmt.Errorf("project_key is required")
	}
	if c.MachineID == "" {
		return fmt.Errorf("machine_id is required")
	}
	switch c.Environment {
	case EnvDev, EnvTest, EnvLive:
	default:
		return fmt.Errorf("unknown environment %q", c.Environment)
	}
	if c.HeartbeatInterval <= 0 {
		return fmt.Errorf("heartbeat_interval must be positive")
	}
	if c.Discovery.Interval <= 0 {
		return fmt.Errorf("discovery.interval must be positive")
	}
	if c.Delivery.MaxInflight <= 0 || c.Delivery.QueueSize <= 0 {
		return fmt.Errorf("delivery limits must be positive")
	}
	return nil
}

// SecurityEnabled reports whether the security pipeline should be built.
func (c *Config) SecurityEnabled() bool { return c.Security.JWTSecret != "" }

// LoadEnvFile reads KEY=VALUE lines from path into the process environment.
// Blank lines and #-comments are skipped. Existing variables are not
// overwritten.
func LoadEnvFile(path string) error {
	f, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("open env file: %w", err)
	}
	defer f.Close()

	sc := bufio.NewScanner(f)
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		key, value, ok := strings.Cut(line, "=")
		if !ok {
			return fmt.Errorf("malformed env line %q", line)
		}
		key = strings.TrimSpace(key)
		value = strings.Trim(strings.TrimSpace(value), `"`)
		if _, exists := os.LookupEnv(key); !exists {
			if err := os.Setenv(key, value); err != nil {
				return err
			}
		}
	}
	return sc.Err()
}

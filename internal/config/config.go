// Package config loads server configuration from an optional YAML file
// with environment-variable overrides.
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

// Duration is a time.Duration that unmarshals from YAML strings like "15m".
type Duration time.Duration

func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	var raw string
	if err := value.Decode(&raw); err != nil {
		return err
	}
	parsed, err := time.ParseDuration(raw)
	if err != nil {
		return fmt.Errorf("parse duration %q: %w", raw, err)
	}
	*d = Duration(parsed)
	return nil
}

func (d Duration) Std() time.Duration { return time.Duration(d) }

type RuntimeConfig struct {
	// Kind selects the container runtime: docker or local.
	Kind string `yaml:"kind"`

	// RegistryPrefix is prepended to template image refs when pulling.
	RegistryPrefix string `yaml:"registry_prefix"`

	// LocalImages maps image refs to host directories for the local runtime.
	LocalImages map[string]string `yaml:"local_images"`
}

type SnapshotConfig struct {
	// DSN selects the sqlite store when set; Dir selects the filesystem
	// store. DSN wins when both are set.
	DSN string `yaml:"dsn"`
	Dir string `yaml:"dir"`
}

type ProviderConfig struct {
	// Name is the default completion provider: anthropic or openai.
	Name  string `yaml:"name"`
	Model string `yaml:"model"`

	AnthropicAPIKey string `yaml:"anthropic_api_key"`
	OpenAIAPIKey    string `yaml:"openai_api_key"`
}

type SessionConfig struct {
	Budget      Duration `yaml:"budget"`
	ExecTimeout Duration `yaml:"exec_timeout"`
	MaxParallel int      `yaml:"max_parallel"`
}

type Config struct {
	ListenAddr      string         `yaml:"listen_addr"`
	DefaultTemplate string         `yaml:"default_template"`
	Runtime         RuntimeConfig  `yaml:"runtime"`
	Snapshots       SnapshotConfig `yaml:"snapshots"`
	Provider        ProviderConfig `yaml:"provider"`
	Session         SessionConfig  `yaml:"session"`
}

func defaults() Config {
	return Config{
		ListenAddr: ":8080",
		Runtime:    RuntimeConfig{Kind: "docker"},
		Snapshots:  SnapshotConfig{Dir: "snapshots"},
		Provider:   ProviderConfig{Name: "anthropic"},
	}
}

// Load reads the YAML file at path (skipped when path is empty or the file
// does not exist), then applies environment overrides, then validates.
func Load(path string) (*Config, error) {
	cfg := defaults()
	if path != "" {
		b, err := os.ReadFile(path)
		if err != nil {
			if !os.IsNotExist(err) {
				return nil, err
			}
		} else if err := yaml.Unmarshal(b, &cfg); err != nil {
			return nil, fmt.Errorf("parse %s: %w", path, err)
		}
	}
	cfg.applyEnv()
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) applyEnv() {
	setString(&c.ListenAddr, "APPDRAFT_LISTEN_ADDR")
	setString(&c.DefaultTemplate, "APPDRAFT_TEMPLATE")
	setString(&c.Runtime.Kind, "APPDRAFT_RUNTIME")
	setString(&c.Runtime.RegistryPrefix, "APPDRAFT_REGISTRY_PREFIX")
	setString(&c.Snapshots.DSN, "APPDRAFT_SNAPSHOT_DSN")
	setString(&c.Snapshots.Dir, "APPDRAFT_SNAPSHOT_DIR")
	setString(&c.Provider.Name, "APPDRAFT_PROVIDER")
	setString(&c.Provider.Model, "APPDRAFT_MODEL")
	setString(&c.Provider.AnthropicAPIKey, "ANTHROPIC_API_KEY")
	setString(&c.Provider.OpenAIAPIKey, "OPENAI_API_KEY")
	setInt(&c.Session.MaxParallel, "APPDRAFT_MAX_PARALLEL")
	setDuration(&c.Session.Budget, "APPDRAFT_SESSION_BUDGET")
	setDuration(&c.Session.ExecTimeout, "APPDRAFT_EXEC_TIMEOUT")
}

func (c *Config) validate() error {
	switch c.Runtime.Kind {
	case "docker", "local":
	default:
		return fmt.Errorf("runtime.kind must be docker or local, got %q", c.Runtime.Kind)
	}
	switch c.Provider.Name {
	case "anthropic", "openai":
	default:
		return fmt.Errorf("provider.name must be anthropic or openai, got %q", c.Provider.Name)
	}
	if c.Snapshots.DSN == "" && c.Snapshots.Dir == "" {
		return fmt.Errorf("snapshots need a dsn or a dir")
	}
	return nil
}

func setString(dst *string, key string) {
	if v := os.Getenv(key); v != "" {
		*dst = v
	}
}

func setInt(dst *int, key string) {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			*dst = n
		}
	}
}

func setDuration(dst *Duration, key string) {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			*dst = Duration(d)
		}
	}
}

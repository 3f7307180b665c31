package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/llamakiln/kiln/pkg/toolchain"
	"github.com/llamakiln/kiln/pkg/transport"
)

const (
	defaultDirName          = ".kiln"
	defaultToolchainTag     = "b4916"
	defaultReadinessTimeout = 5 * time.Minute
)

// Duration is a time.Duration that unmarshals from yaml strings like "90s"
// or bare integers interpreted as seconds.
type Duration time.Duration

func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	var s string
	if err := value.Decode(&s); err == nil {
		parsed, err := time.ParseDuration(s)
		if err != nil {
			return fmt.Errorf("invalid duration %q: %w", s, err)
		}
		*d = Duration(parsed)
		return nil
	}
	var n int64
	if err := value.Decode(&n); err != nil {
		return fmt.Errorf("invalid duration value: %w", err)
	}
	*d = Duration(time.Duration(n) * time.Second)
	return nil
}

// Std returns the wrapped time.Duration.
func (d Duration) Std() time.Duration {
	return time.Duration(d)
}

// Config holds user-level defaults loaded from the config file. Every field
// can also be overridden per invocation with CLI flags.
type Config struct {
	// CacheRoot is the directory holding toolchains, instance state and logs.
	// Defaults to ~/.kiln.
	CacheRoot string `yaml:"cacheRoot"`

	LogLevel string `yaml:"logLevel"`

	Toolchain ToolchainConfig `yaml:"toolchain"`
	Engine    EngineConfig    `yaml:"engine"`
}

// ToolchainConfig selects which engine build to acquire by default.
type ToolchainConfig struct {
	Tag         string `yaml:"tag"`
	Variant     string `yaml:"variant"`
	ReleaseBase string `yaml:"releaseBase"`
}

// EngineConfig carries default launch parameters.
type EngineConfig struct {
	ContextSize      int      `yaml:"contextSize"`
	OffloadLayers    int      `yaml:"offloadLayers"`
	Threads          int      `yaml:"threads"`
	Transport        string   `yaml:"transport"`
	ReadinessTimeout Duration `yaml:"readinessTimeout"`
}

func (c *EngineConfig) validate() error {
	if c.ContextSize < 0 {
		return fmt.Errorf("contextSize must not be negative")
	}
	if c.OffloadLayers < 0 {
		return fmt.Errorf("offloadLayers must not be negative")
	}
	if c.Threads < 0 {
		return fmt.Errorf("threads must not be negative")
	}
	if c.Transport != "" {
		if _, err := transport.ParseKind(c.Transport); err != nil {
			return err
		}
	}
	if c.ReadinessTimeout < 0 {
		return fmt.Errorf("readinessTimeout must not be negative")
	}
	if c.ReadinessTimeout == 0 {
		c.ReadinessTimeout = Duration(defaultReadinessTimeout)
	}
	return nil
}

// Validate checks the configuration and fills in defaults.
func (c *Config) Validate() error {
	if c.CacheRoot == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return fmt.Errorf("resolving home directory: %w", err)
		}
		c.CacheRoot = filepath.Join(home, defaultDirName)
	}
	if c.LogLevel == "" {
		c.LogLevel = "info"
	}
	if c.Toolchain.Tag == "" {
		c.Toolchain.Tag = defaultToolchainTag
	}
	if c.Toolchain.Variant == "" {
		c.Toolchain.Variant = string(toolchain.DefaultVariant())
	}
	if _, err := toolchain.ParseVariant(c.Toolchain.Variant); err != nil {
		return err
	}
	if c.Toolchain.ReleaseBase == "" {
		c.Toolchain.ReleaseBase = toolchain.DefaultReleaseBase
	}
	return c.Engine.validate()
}

// ToolchainDir is where acquired engine builds live.
func (c *Config) ToolchainDir() string {
	return filepath.Join(c.CacheRoot, "toolchains")
}

// RuntimeDir holds sockets and other per-process runtime files.
func (c *Config) RuntimeDir() string {
	return filepath.Join(c.CacheRoot, "run")
}

// InstanceDir holds the instance registry.
func (c *Config) InstanceDir() string {
	return filepath.Join(c.CacheRoot, "instances")
}

// Load reads the config file at path. A missing file yields defaults; an
// empty path consults KILN_CONFIG and then ~/.kiln/config.yaml. Environment
// variables KILN_CACHE_ROOT, KILN_LOG_LEVEL, KILN_TOOLCHAIN_TAG and
// KILN_TOOLCHAIN_VARIANT override file values.
func Load(path string) (Config, error) {
	var config Config

	if path == "" {
		path = os.Getenv("KILN_CONFIG")
	}
	if path == "" {
		if home, err := os.UserHomeDir(); err == nil {
			path = filepath.Join(home, defaultDirName, "config.yaml")
		}
	}

	if path != "" {
		b, err := os.ReadFile(path)
		switch {
		case err == nil:
			if err := yaml.Unmarshal(b, &config); err != nil {
				return config, fmt.Errorf("config: unmarshal: %s", err)
			}
		case !os.IsNotExist(err):
			return config, fmt.Errorf("config: read: %s", err)
		}
	}

	applyEnv(&config)

	if err := config.Validate(); err != nil {
		return config, err
	}
	return config, nil
}

func applyEnv(c *Config) {
	if v := os.Getenv("KILN_CACHE_ROOT"); v != "" {
		c.CacheRoot = v
	}
	if v := os.Getenv("KILN_LOG_LEVEL"); v != "" {
		c.LogLevel = v
	}
	if v := os.Getenv("KILN_TOOLCHAIN_TAG"); v != "" {
		c.Toolchain.Tag = v
	}
	if v := os.Getenv("KILN_TOOLCHAIN_VARIANT"); v != "" {
		c.Toolchain.Variant = v
	}
}

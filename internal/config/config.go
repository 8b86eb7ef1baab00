// Package config loads the analyzer configuration from YAML.
package config

import (
	_ "embed"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"
)

//go:embed default.yaml
var defaultYAML []byte

// FileName is the configuration file searched upward from the working
// directory.
const FileName = ".tryton-analyzer.yaml"

// EnvModulePaths overrides module_paths with a list separated by
// os.PathListSeparator.
const EnvModulePaths = "TRYTON_ANALYZER_MODULE_PATHS"

// ErrInvalid is returned when a configuration fails validation.
var ErrInvalid = errors.New("invalid configuration")

// Duration decodes "5s" style strings.
type Duration time.Duration

// UnmarshalYAML implements yaml.Unmarshaler.
func (d *Duration) UnmarshalYAML(node *yaml.Node) error {
	var s string
	if err := node.Decode(&s); err != nil {
		return err
	}
	parsed, err := time.ParseDuration(strings.TrimSpace(s))
	if err != nil {
		return fmt.Errorf("line %d: %w", node.Line, err)
	}
	*d = Duration(parsed)
	return nil
}

// MarshalYAML implements yaml.Marshaler.
func (d Duration) MarshalYAML() (any, error) {
	return time.Duration(d).String(), nil
}

// Std returns the value as a time.Duration.
func (d Duration) Std() time.Duration {
	return time.Duration(d)
}

// SpecialParameter maps a method parameter to a record binding of the
// enclosing model. Either Method or Decorator is set.
type SpecialParameter struct {
	Method      string `yaml:"method,omitempty" validate:"required_without=Decorator"`
	Decorator   string `yaml:"decorator,omitempty" validate:"required_without=Method"`
	Index       int    `yaml:"index" validate:"gte=0"`
	Cardinality string `yaml:"cardinality" validate:"oneof=single many"`
}

// Worker configures the introspector process.
type Worker struct {
	Command         []string `yaml:"command"`
	Timeout         Duration `yaml:"timeout" validate:"gt=0"`
	StartTimeout    Duration `yaml:"start_timeout" validate:"gt=0"`
	RespawnInterval Duration `yaml:"respawn_interval" validate:"gt=0"`
	RespawnBurst    int      `yaml:"respawn_burst" validate:"gt=0"`
}

// Config is the analyzer configuration.
type Config struct {
	ModulePaths       []string           `yaml:"module_paths"`
	BaseModules       []string           `yaml:"base_modules" validate:"dive,required"`
	MaxFileSize       int                `yaml:"max_file_size" validate:"gt=0"`
	CompletionLimit   int                `yaml:"completion_limit" validate:"gt=0"`
	LogLevel          string             `yaml:"log_level" validate:"oneof=debug info warn warning error"`
	IgnoreCodes       []string           `yaml:"ignore_codes" validate:"dive,len=4,numeric"`
	Worker            Worker             `yaml:"worker"`
	SpecialParameters []SpecialParameter `yaml:"special_parameters" validate:"dive"`

	// Path is the file the configuration was read from, if any.
	Path string `yaml:"-"`
}

var (
	validate     *validator.Validate
	validateOnce sync.Once
)

// Validate checks the configuration.
func (c *Config) Validate() error {
	validateOnce.Do(func() {
		validate = validator.New(validator.WithRequiredStructEnabled())
	})
	if err := validate.Struct(c); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalid, err)
	}
	return nil
}

// Ignored reports whether a diagnostic code is disabled.
func (c *Config) Ignored(code string) bool {
	for _, ic := range c.IgnoreCodes {
		if ic == code {
			return true
		}
	}
	return false
}

// Default returns the embedded default configuration.
func Default() *Config {
	c := &Config{}
	if err := yaml.Unmarshal(defaultYAML, c); err != nil {
		panic(fmt.Sprintf("config: embedded defaults: %v", err))
	}
	return c
}

// Load reads the configuration. An empty path searches FileName upward from
// the working directory; no file at all yields the defaults. Relative module
// paths are resolved against the configuration file directory.
func Load(path string) (*Config, error) {
	if path == "" {
		wd, err := os.Getwd()
		if err == nil {
			path = Find(wd)
		}
	}
	c := Default()
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("reading config: %w", err)
		}
		if err := Parse(data, c); err != nil {
			return nil, fmt.Errorf("%s: %w", path, err)
		}
		c.Path = path
		base := filepath.Dir(path)
		for i, p := range c.ModulePaths {
			if !filepath.IsAbs(p) {
				c.ModulePaths[i] = filepath.Join(base, p)
			}
		}
	}
	if env := os.Getenv(EnvModulePaths); env != "" {
		c.ModulePaths = filepath.SplitList(env)
	}
	if err := c.Validate(); err != nil {
		return nil, err
	}
	return c, nil
}

// Parse decodes YAML over c, keeping keys that data does not set.
func Parse(data []byte, c *Config) error {
	if err := yaml.Unmarshal(data, c); err != nil {
		return fmt.Errorf("parsing config: %w", err)
	}
	return nil
}

// Find walks up from dir looking for FileName.
func Find(dir string) string {
	for {
		candidate := filepath.Join(dir, FileName)
		if info, err := os.Stat(candidate); err == nil && !info.IsDir() {
			return candidate
		}
		parent := filepath.Dir(dir)
		if parent == dir {
			return ""
		}
		dir = parent
	}
}

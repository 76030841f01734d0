// Package config loads the tstcheck configuration file.
package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/sirupsen/logrus"
	"gopkg.in/yaml.v3"
)

// Common errors
var (
	ErrConfigurationError = errors.New("configuration error")
	ErrInvalidValue       = errors.New("invalid value")
)

// ConfigError represents a configuration error with context.
type ConfigError struct {
	Field   string
	Message string
	Err     error
}

func (e *ConfigError) Error() string {
	if e.Field != "" {
		return fmt.Sprintf("config error in '%s': %s", e.Field, e.Message)
	}
	return fmt.Sprintf("config error: %s", e.Message)
}

func (e *ConfigError) Unwrap() error {
	return e.Err
}

// NewConfigError creates a new ConfigError.
func NewConfigError(field, message string) *ConfigError {
	return &ConfigError{Field: field, Message: message, Err: ErrInvalidValue}
}

// Output formats
const (
	FormatText = "text"
	FormatJSON = "json"
)

// LoggingConfig contains logging configuration.
type LoggingConfig struct {
	// Level is the log level (debug, info, warn, error).
	Level string `yaml:"level" json:"level,omitempty"`

	// Format is the log format (text, json).
	Format string `yaml:"format" json:"format,omitempty"`

	// Output is the log output (stdout, stderr, or file path).
	Output string `yaml:"output" json:"output,omitempty"`
}

// SetDefaults sets default values for logging configuration.
func (c *LoggingConfig) SetDefaults() {
	if c.Level == "" {
		c.Level = "info"
	}
	if c.Format == "" {
		c.Format = FormatText
	}
	if c.Output == "" {
		c.Output = "stderr"
	}
}

// Validate checks the level and format.
func (c *LoggingConfig) Validate() error {
	if _, err := logrus.ParseLevel(c.Level); err != nil {
		return &ConfigError{Field: "logging.level", Message: err.Error(), Err: ErrInvalidValue}
	}
	switch c.Format {
	case FormatText, FormatJSON:
	default:
		return NewConfigError("logging.format", fmt.Sprintf("unknown format %q", c.Format))
	}
	return nil
}

// NewLogger builds a logger from the configuration. The returned closer
// releases a log file and is a no-op for stdout and stderr.
func (c *LoggingConfig) NewLogger() (*logrus.Logger, io.Closer, error) {
	cfg := *c
	cfg.SetDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, nil, err
	}

	logger := logrus.New()
	level, _ := logrus.ParseLevel(cfg.Level)
	logger.SetLevel(level)

	if cfg.Format == FormatJSON {
		logger.SetFormatter(&logrus.JSONFormatter{})
	} else {
		logger.SetFormatter(&logrus.TextFormatter{DisableTimestamp: true})
	}

	var closer io.Closer = nopCloser{}
	switch strings.ToLower(cfg.Output) {
	case "stderr":
		logger.SetOutput(os.Stderr)
	case "stdout":
		logger.SetOutput(os.Stdout)
	default:
		f, err := os.OpenFile(cfg.Output, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
		if err != nil {
			return nil, nil, fmt.Errorf("failed to open log file: %w", err)
		}
		logger.SetOutput(f)
		closer = f
	}
	return logger, closer, nil
}

type nopCloser struct{}

func (nopCloser) Close() error { return nil }

// OutputConfig controls how findings are rendered.
type OutputConfig struct {
	// Format is text or json.
	Format string `yaml:"format" json:"format,omitempty"`
}

// AnalysisConfig controls the analysis run.
type AnalysisConfig struct {
	// Parallelism bounds how many signatures are analyzed at once.
	Parallelism int `yaml:"parallelism" json:"parallelism,omitempty"`

	// FailOnAmbiguous treats an unresolved signer certificate as a failure
	// when computing the exit status.
	FailOnAmbiguous bool `yaml:"fail-on-ambiguous" json:"fail_on_ambiguous,omitempty"`
}

// AppConfig contains the complete application configuration.
type AppConfig struct {
	// Logging contains logging configuration.
	Logging *LoggingConfig `yaml:"logging" json:"logging,omitempty"`

	// Output contains report rendering configuration.
	Output *OutputConfig `yaml:"output" json:"output,omitempty"`

	// Analysis contains analysis configuration.
	Analysis *AnalysisConfig `yaml:"analysis" json:"analysis,omitempty"`
}

// DefaultAppConfig returns the configuration used when no file is given.
func DefaultAppConfig() *AppConfig {
	cfg := &AppConfig{}
	cfg.SetDefaults()
	return cfg
}

// SetDefaults fills in every unset section and field.
func (c *AppConfig) SetDefaults() {
	if c.Logging == nil {
		c.Logging = &LoggingConfig{}
	}
	c.Logging.SetDefaults()

	if c.Output == nil {
		c.Output = &OutputConfig{}
	}
	if c.Output.Format == "" {
		c.Output.Format = FormatText
	}

	if c.Analysis == nil {
		c.Analysis = &AnalysisConfig{}
	}
	if c.Analysis.Parallelism == 0 {
		c.Analysis.Parallelism = 4
	}
}

// Validate validates the application configuration.
func (c *AppConfig) Validate() error {
	if c.Logging != nil {
		if err := c.Logging.Validate(); err != nil {
			return err
		}
	}
	if c.Output != nil {
		switch c.Output.Format {
		case FormatText, FormatJSON:
		default:
			return NewConfigError("output.format", fmt.Sprintf("unknown format %q", c.Output.Format))
		}
	}
	if c.Analysis != nil && c.Analysis.Parallelism < 0 {
		return NewConfigError("analysis.parallelism", "must not be negative")
	}
	return nil
}

// ParseAppConfig parses YAML configuration, applies defaults and validates
// the result. Unknown keys are rejected.
func ParseAppConfig(data []byte) (*AppConfig, error) {
	var config AppConfig
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(&config); err != nil && !errors.Is(err, io.EOF) {
		return nil, &ConfigError{Message: err.Error(), Err: ErrConfigurationError}
	}

	config.SetDefaults()
	if err := config.Validate(); err != nil {
		return nil, err
	}
	return &config, nil
}

// LoadAppConfig loads the complete application configuration from a file.
func LoadAppConfig(filename string) (*AppConfig, error) {
	data, err := os.ReadFile(filename)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}
	return ParseAppConfig(data)
}

package config

import (
	"errors"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// APIKeyEnvVar is the environment variable consulted when no --api-key flag is given.
const APIKeyEnvVar = "TINYPNG_API_KEY"

// DefaultMaxWidth is the widest image the remote service is asked to produce.
const DefaultMaxWidth = 1920

// ErrMissingAPIKey is returned when no API key could be resolved from any source.
var ErrMissingAPIKey = errors.New("no API key provided")

// Config represents the main configuration structure
type Config struct {
	SourcePath          string            `mapstructure:"source_path"`
	TargetDirectory     string            `mapstructure:"target_directory"`
	APIKey              string            `mapstructure:"api_key"`
	SupportedExtensions []string          `mapstructure:"supported_extensions"`
	Compression         CompressionConfig `mapstructure:"compression"`
	Performance         PerformanceConfig `mapstructure:"performance"`
	Remote              RemoteConfig      `mapstructure:"remote"`
	Logging             LoggingConfig     `mapstructure:"logging"`
}

// CompressionConfig contains per-file compression settings
type CompressionConfig struct {
	MaxWidth         int  `mapstructure:"max_width"`
	PreserveMetadata bool `mapstructure:"preserve_metadata"`
	DryRun           bool `mapstructure:"dry_run"`
}

// PerformanceConfig contains performance tuning settings
type PerformanceConfig struct {
	Concurrency int `mapstructure:"concurrency"`
}

// RemoteConfig contains settings for the compression service
type RemoteConfig struct {
	Endpoint string        `mapstructure:"endpoint"`
	Timeout  time.Duration `mapstructure:"timeout"`
}

// LoggingConfig contains logging settings
type LoggingConfig struct {
	Level      string `mapstructure:"level"`
	FilePath   string `mapstructure:"file_path"`
	MaxSize    int    `mapstructure:"max_size"` // MB
	MaxBackups int    `mapstructure:"max_backups"`
	MaxAge     int    `mapstructure:"max_age"` // days
	Compress   bool   `mapstructure:"compress"`
}

// DefaultConfig returns a configuration with default values
func DefaultConfig() *Config {
	return &Config{
		SupportedExtensions: []string{".jpg", ".jpeg", ".png", ".webp"},
		Compression: CompressionConfig{
			MaxWidth:         DefaultMaxWidth,
			PreserveMetadata: false,
			DryRun:           false,
		},
		Performance: PerformanceConfig{
			Concurrency: 4,
		},
		Remote: RemoteConfig{
			Endpoint: "https://api.tinify.com",
			Timeout:  2 * time.Minute,
		},
		Logging: LoggingConfig{
			Level:      "info",
			FilePath:   "image-squasher.log",
			MaxSize:    10,
			MaxBackups: 3,
			MaxAge:     30,
			Compress:   true,
		},
	}
}

// LoadConfig loads configuration from file and environment variables
func LoadConfig(configPath string) (*Config, error) {
	v := viper.New()
	v.SetConfigType("yaml")

	if configPath != "" {
		v.SetConfigFile(configPath)
	} else {
		v.SetConfigName("config")
		v.AddConfigPath(".")
		v.AddConfigPath("$HOME/.image-squasher")
		v.AddConfigPath("/etc/image-squasher")
	}

	// Every key needs a default so that AutomaticEnv can see it during Unmarshal.
	setDefaults(v, DefaultConfig())

	v.SetEnvPrefix("IMAGE_SQUASHER")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	if err := v.BindEnv("api_key", APIKeyEnvVar); err != nil {
		return nil, fmt.Errorf("error binding %s: %w", APIKeyEnvVar, err)
	}

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, fmt.Errorf("error reading config file: %w", err)
		}
		// Config file not found is OK, we'll use defaults
	}

	config := &Config{}
	if err := v.Unmarshal(config); err != nil {
		return nil, fmt.Errorf("error unmarshaling config: %w", err)
	}

	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return config, nil
}

func setDefaults(v *viper.Viper, d *Config) {
	v.SetDefault("source_path", d.SourcePath)
	v.SetDefault("target_directory", d.TargetDirectory)
	v.SetDefault("api_key", d.APIKey)
	v.SetDefault("supported_extensions", d.SupportedExtensions)

	v.SetDefault("compression.max_width", d.Compression.MaxWidth)
	v.SetDefault("compression.preserve_metadata", d.Compression.PreserveMetadata)
	v.SetDefault("compression.dry_run", d.Compression.DryRun)

	v.SetDefault("performance.concurrency", d.Performance.Concurrency)

	v.SetDefault("remote.endpoint", d.Remote.Endpoint)
	v.SetDefault("remote.timeout", d.Remote.Timeout)

	v.SetDefault("logging.level", d.Logging.Level)
	v.SetDefault("logging.file_path", d.Logging.FilePath)
	v.SetDefault("logging.max_size", d.Logging.MaxSize)
	v.SetDefault("logging.max_backups", d.Logging.MaxBackups)
	v.SetDefault("logging.max_age", d.Logging.MaxAge)
	v.SetDefault("logging.compress", d.Logging.Compress)
}

// Validate validates and normalizes the configuration. Source and target
// paths are expanded in place.
func (c *Config) Validate() error {
	if c.SourcePath != "" {
		c.SourcePath = expandPath(c.SourcePath)
	}
	if c.TargetDirectory != "" {
		c.TargetDirectory = expandPath(c.TargetDirectory)
	}
	if c.Logging.FilePath != "" {
		c.Logging.FilePath = expandPath(c.Logging.FilePath)
	}

	c.SupportedExtensions = normalizeExtensions(c.SupportedExtensions)
	if len(c.SupportedExtensions) == 0 {
		return fmt.Errorf("supported_extensions must not be empty")
	}

	if c.Compression.MaxWidth <= 0 {
		c.Compression.MaxWidth = DefaultMaxWidth
	}
	if c.Performance.Concurrency <= 0 {
		c.Performance.Concurrency = 4
	}
	if c.Remote.Timeout <= 0 {
		c.Remote.Timeout = 2 * time.Minute
	}

	u, err := url.Parse(c.Remote.Endpoint)
	if err != nil || u.Scheme == "" || u.Host == "" {
		return fmt.Errorf("invalid remote endpoint: %q", c.Remote.Endpoint)
	}

	validLogLevels := map[string]bool{
		"debug": true,
		"info":  true,
		"warn":  true,
		"error": true,
	}
	if !validLogLevels[strings.ToLower(c.Logging.Level)] {
		return fmt.Errorf("invalid log level: %s (valid: debug, info, warn, error)", c.Logging.Level)
	}

	return nil
}

// ValidatePaths checks the source and target arguments before a run.
// It expects Validate to have expanded them already.
func (c *Config) ValidatePaths() error {
	if c.SourcePath == "" {
		return fmt.Errorf("source path is required")
	}
	if _, err := os.Stat(c.SourcePath); err != nil {
		return fmt.Errorf("source path does not exist or is not accessible: %s", c.SourcePath)
	}
	if c.TargetDirectory == "" {
		return fmt.Errorf("target directory is required")
	}
	if info, err := os.Stat(c.TargetDirectory); err == nil && !info.IsDir() {
		return fmt.Errorf("target is not a directory: %s", c.TargetDirectory)
	}
	return nil
}

// ResolveAPIKey picks the flag value when set, otherwise the key loaded
// from the environment or config file.
func (c *Config) ResolveAPIKey(flagValue string) (string, error) {
	if key := strings.TrimSpace(flagValue); key != "" {
		return key, nil
	}
	if key := strings.TrimSpace(c.APIKey); key != "" {
		return key, nil
	}
	return "", fmt.Errorf("%w (use --api-key or set %s)", ErrMissingAPIKey, APIKeyEnvVar)
}

// Helper functions

func expandPath(path string) string {
	expandedPath := os.ExpandEnv(path)
	if strings.HasPrefix(expandedPath, "~") {
		if home, err := os.UserHomeDir(); err == nil {
			expandedPath = filepath.Join(home, expandedPath[1:])
		}
	}
	return expandedPath
}

func normalizeExtensions(extensions []string) []string {
	normalized := make([]string, 0, len(extensions))
	for _, ext := range extensions {
		ext = strings.ToLower(strings.TrimSpace(ext))
		if ext == "" {
			continue
		}
		if !strings.HasPrefix(ext, ".") {
			ext = "." + ext
		}
		normalized = append(normalized, ext)
	}
	return normalized
}

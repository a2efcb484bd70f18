package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

// EnvPrefix prefixes every environment override, e.g. TASKY_PHOTOS_COMPRESSION_THRESHOLD_BYTES.
const EnvPrefix = "TASKY_PHOTOS"

// Config represents the main configuration structure
type Config struct {
	CacheDirectory string            `mapstructure:"cache_directory"`
	Compression    CompressionConfig `mapstructure:"compression"`
	Performance    PerformanceConfig `mapstructure:"performance"`
	Upload         UploadConfig      `mapstructure:"upload"`
	Server         ServerConfig      `mapstructure:"server"`
	Logging        LoggingConfig     `mapstructure:"logging"`
}

// CompressionConfig contains settings of the adaptive compressor
type CompressionConfig struct {
	ThresholdBytes int64  `mapstructure:"threshold_bytes"`
	Format         string `mapstructure:"format"`
}

// PerformanceConfig contains performance tuning settings
type PerformanceConfig struct {
	EncodeWorkers     int           `mapstructure:"encode_workers"`
	MaxConcurrentJobs int           `mapstructure:"max_concurrent_jobs"`
	MaxFinishedJobs   int           `mapstructure:"max_finished_jobs"`
	JobRetention      time.Duration `mapstructure:"job_retention"`
	ImageTimeout      time.Duration `mapstructure:"image_timeout"`
	DownloadTimeout   time.Duration `mapstructure:"download_timeout"`
}

// UploadConfig contains the agenda API settings
type UploadConfig struct {
	BaseURL    string        `mapstructure:"base_url"`
	EventRoute string        `mapstructure:"event_route"`
	APIKey     string        `mapstructure:"api_key"`
	Token      string        `mapstructure:"token"`
	Timeout    time.Duration `mapstructure:"timeout"`
}

// ServerConfig contains HTTP API settings
type ServerConfig struct {
	BindAddress string `mapstructure:"bind_address"`
	Port        int    `mapstructure:"port"`
	// AllowedOrigins lists browser origins besides the server's own that may
	// call the API. "*" allows any origin.
	AllowedOrigins []string `mapstructure:"allowed_origins"`
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
		CacheDirectory: filepath.Join(os.TempDir(), "tasky-photos"),
		Compression: CompressionConfig{
			ThresholdBytes: 1024 * 1024,
			Format:         "png",
		},
		Performance: PerformanceConfig{
			EncodeWorkers:     0, // 0 means runtime.NumCPU()
			MaxConcurrentJobs: 2,
			MaxFinishedJobs:   100,
			JobRetention:      time.Hour,
			ImageTimeout:      2 * time.Minute,
			DownloadTimeout:   30 * time.Second,
		},
		Upload: UploadConfig{
			EventRoute: "/event",
			Timeout:    60 * time.Second,
		},
		Server: ServerConfig{
			BindAddress: "127.0.0.1",
			Port:        8080,
		},
		Logging: LoggingConfig{
			Level:      "info",
			FilePath:   "",
			MaxSize:    10,
			MaxBackups: 3,
			MaxAge:     30,
			Compress:   true,
		},
	}
}

// LoadConfig loads configuration from a .env file, a yaml file and
// environment variables, in increasing order of precedence.
func LoadConfig(configPath string) (*Config, error) {
	// A missing .env is fine.
	_ = godotenv.Load()

	config := DefaultConfig()
	v := viper.New()
	setDefaults(v, config)

	v.SetConfigType("yaml")
	if configPath != "" {
		v.SetConfigFile(configPath)
	} else {
		v.SetConfigName("config")
		v.AddConfigPath(".")
		v.AddConfigPath("$HOME/.tasky-photos")
		v.AddConfigPath("/etc/tasky-photos")
	}

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, fmt.Errorf("error reading config file: %w", err)
		}
	}

	if err := v.Unmarshal(config); err != nil {
		return nil, fmt.Errorf("error unmarshaling config: %w", err)
	}

	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return config, nil
}

// setDefaults registers every key so AutomaticEnv can override keys absent
// from the config file.
func setDefaults(v *viper.Viper, c *Config) {
	v.SetDefault("cache_directory", c.CacheDirectory)
	v.SetDefault("compression.threshold_bytes", c.Compression.ThresholdBytes)
	v.SetDefault("compression.format", c.Compression.Format)
	v.SetDefault("performance.encode_workers", c.Performance.EncodeWorkers)
	v.SetDefault("performance.max_concurrent_jobs", c.Performance.MaxConcurrentJobs)
	v.SetDefault("performance.max_finished_jobs", c.Performance.MaxFinishedJobs)
	v.SetDefault("performance.job_retention", c.Performance.JobRetention)
	v.SetDefault("performance.image_timeout", c.Performance.ImageTimeout)
	v.SetDefault("performance.download_timeout", c.Performance.DownloadTimeout)
	v.SetDefault("upload.base_url", c.Upload.BaseURL)
	v.SetDefault("upload.event_route", c.Upload.EventRoute)
	v.SetDefault("upload.api_key", c.Upload.APIKey)
	v.SetDefault("upload.token", c.Upload.Token)
	v.SetDefault("upload.timeout", c.Upload.Timeout)
	v.SetDefault("server.bind_address", c.Server.BindAddress)
	v.SetDefault("server.port", c.Server.Port)
	v.SetDefault("server.allowed_origins", c.Server.AllowedOrigins)
	v.SetDefault("logging.level", c.Logging.Level)
	v.SetDefault("logging.file_path", c.Logging.FilePath)
	v.SetDefault("logging.max_size", c.Logging.MaxSize)
	v.SetDefault("logging.max_backups", c.Logging.MaxBackups)
	v.SetDefault("logging.max_age", c.Logging.MaxAge)
	v.SetDefault("logging.compress", c.Logging.Compress)
}

// Validate validates the configuration
func (c *Config) Validate() error {
	if c.CacheDirectory == "" {
		return fmt.Errorf("cache_directory is required")
	}
	c.CacheDirectory = expandPath(c.CacheDirectory)

	if c.Compression.ThresholdBytes <= 0 {
		return fmt.Errorf("compression.threshold_bytes must be positive, got %d", c.Compression.ThresholdBytes)
	}

	c.Compression.Format = strings.ToLower(c.Compression.Format)
	validFormats := map[string]bool{
		"png":  true,
		"jpeg": true,
		"jpg":  true,
	}
	if !validFormats[c.Compression.Format] {
		return fmt.Errorf("invalid compression format: %s (valid: png, jpeg)", c.Compression.Format)
	}

	if c.Performance.EncodeWorkers < 0 {
		c.Performance.EncodeWorkers = 0
	}
	if c.Performance.MaxConcurrentJobs <= 0 {
		c.Performance.MaxConcurrentJobs = 2
	}
	if c.Performance.MaxFinishedJobs <= 0 {
		c.Performance.MaxFinishedJobs = 100
	}
	if c.Performance.JobRetention < 0 {
		return fmt.Errorf("performance.job_retention must not be negative")
	}
	if c.Performance.ImageTimeout < 0 {
		return fmt.Errorf("performance.image_timeout must not be negative")
	}
	if c.Performance.DownloadTimeout <= 0 {
		c.Performance.DownloadTimeout = 30 * time.Second
	}

	if c.Upload.EventRoute == "" {
		c.Upload.EventRoute = "/event"
	}
	if c.Upload.Timeout <= 0 {
		c.Upload.Timeout = 60 * time.Second
	}

	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		return fmt.Errorf("invalid server port: %d", c.Server.Port)
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

func expandPath(path string) string {
	expanded := os.ExpandEnv(path)
	if strings.HasPrefix(expanded, "~") {
		if home, err := os.UserHomeDir(); err == nil {
			expanded = filepath.Join(home, expanded[1:])
		}
	}
	return expanded
}

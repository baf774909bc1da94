package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// DefaultPath is used when CONFIG_PATH is not set
const DefaultPath = "./config/config.yaml"

// Config represents the application configuration
type Config struct {
	Server struct {
		Host string `yaml:"host"`
		Port int    `yaml:"port"`
	} `yaml:"server"`

	Database struct {
		// Driver is one of memory, sqlite or mysql
		Driver string `yaml:"driver"`
		Path   string `yaml:"path"`
	} `yaml:"database"`

	Storage struct {
		UploadDir   string `yaml:"upload_dir"`
		OutputDir   string `yaml:"output_dir"`
		MaxFileSize int64  `yaml:"max_file_size"`
	} `yaml:"storage"`

	Logging struct {
		Dir    string `yaml:"dir"`
		AppLog string `yaml:"app_log"`
	} `yaml:"logging"`

	Conversion struct {
		MaxRunning  int           `yaml:"max_running"`
		Timeout     time.Duration `yaml:"timeout"`
		EnginesPath string        `yaml:"engines_path"`
	} `yaml:"conversion"`

	Watcher struct {
		Rules []WatchRule `yaml:"rules"`
	} `yaml:"watcher"`
}

// WatchRule turns files dropped into Path into conversion jobs
type WatchRule struct {
	Path         string `yaml:"path"`
	Engine       string `yaml:"engine"`
	TargetFormat string `yaml:"target_format"`
	Owner        string `yaml:"owner"`
	// FileGlob accepts several patterns separated by comma or pipe
	FileGlob string `yaml:"file_glob"`
}

// Default returns a configuration with every default applied
func Default() *Config {
	cfg := &Config{}
	cfg.applyDefaults()
	return cfg
}

// Load loads configuration from a YAML file. A missing file yields the defaults.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return Default(), nil
		}
		return nil, err
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config %s: %w", path, err)
	}

	cfg.applyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (cfg *Config) applyDefaults() {
	if cfg.Server.Host == "" {
		cfg.Server.Host = "0.0.0.0"
	}
	if cfg.Server.Port == 0 {
		cfg.Server.Port = 8080
	}
	if cfg.Database.Driver == "" {
		cfg.Database.Driver = "memory"
	}
	if cfg.Database.Path == "" && cfg.Database.Driver == "sqlite" {
		cfg.Database.Path = "./data/fileconvert.db"
	}
	if cfg.Storage.UploadDir == "" {
		cfg.Storage.UploadDir = "./data/uploads"
	}
	if cfg.Storage.OutputDir == "" {
		cfg.Storage.OutputDir = "./data/output"
	}
	if cfg.Storage.MaxFileSize == 0 {
		cfg.Storage.MaxFileSize = 100 << 20
	}
	if cfg.Logging.Dir == "" {
		cfg.Logging.Dir = "./data/logs"
	}
	if cfg.Logging.AppLog == "" {
		cfg.Logging.AppLog = filepath.Join(cfg.Logging.Dir, "app.log")
	}
	if cfg.Conversion.MaxRunning == 0 {
		cfg.Conversion.MaxRunning = 2
	}
	if cfg.Conversion.Timeout == 0 {
		cfg.Conversion.Timeout = 10 * time.Minute
	}
	for i := range cfg.Watcher.Rules {
		if cfg.Watcher.Rules[i].FileGlob == "" {
			cfg.Watcher.Rules[i].FileGlob = "*"
		}
	}
}

// Validate checks values that have no sensible default
func (cfg *Config) Validate() error {
	switch cfg.Database.Driver {
	case "memory", "sqlite", "mysql":
	default:
		return fmt.Errorf("unknown database driver: %s", cfg.Database.Driver)
	}
	if cfg.Conversion.MaxRunning < 0 {
		return fmt.Errorf("conversion.max_running must be positive, got %d", cfg.Conversion.MaxRunning)
	}
	if cfg.Storage.MaxFileSize < 0 {
		return fmt.Errorf("storage.max_file_size must be positive, got %d", cfg.Storage.MaxFileSize)
	}
	for i, rule := range cfg.Watcher.Rules {
		if rule.Path == "" || rule.Engine == "" || rule.TargetFormat == "" || rule.Owner == "" {
			return fmt.Errorf("watcher rule %d: path, engine, target_format and owner are required", i)
		}
	}
	return nil
}

// Addr returns the listen address
func (cfg *Config) Addr() string {
	return fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port)
}

// LoadFromEnv loads configuration with environment variable overrides
func LoadFromEnv(path string) (*Config, error) {
	if envPath := os.Getenv("CONFIG_PATH"); envPath != "" {
		path = envPath
	}
	if path == "" {
		path = DefaultPath
	}

	cfg, err := Load(path)
	if err != nil {
		return nil, err
	}

	// Override with environment variables if set
	if driver := os.Getenv("DB_DRIVER"); driver != "" {
		cfg.Database.Driver = strings.ToLower(driver)
	}
	if dbPath := os.Getenv("DB_PATH"); dbPath != "" {
		cfg.Database.Path = dbPath
	}
	if dir := os.Getenv("UPLOAD_DIR"); dir != "" {
		cfg.Storage.UploadDir = dir
	}
	if dir := os.Getenv("OUTPUT_DIR"); dir != "" {
		cfg.Storage.OutputDir = dir
	}
	if logDir := os.Getenv("LOG_DIR"); logDir != "" {
		cfg.Logging.Dir = logDir
		cfg.Logging.AppLog = filepath.Join(logDir, "app.log")
	}
	if maxRunning := os.Getenv("MAX_RUNNING"); maxRunning != "" {
		if val, err := strconv.Atoi(maxRunning); err == nil && val > 0 {
			cfg.Conversion.MaxRunning = val
		}
	}
	if maxSize := os.Getenv("MAX_FILE_SIZE"); maxSize != "" {
		if val, err := strconv.ParseInt(maxSize, 10, 64); err == nil && val > 0 {
			cfg.Storage.MaxFileSize = val
		}
	}
	if timeout := os.Getenv("CONVERSION_TIMEOUT"); timeout != "" {
		if val, err := time.ParseDuration(timeout); err == nil && val > 0 {
			cfg.Conversion.Timeout = val
		}
	}
	if enginesPath := os.Getenv("ENGINES_PATH"); enginesPath != "" {
		cfg.Conversion.EnginesPath = enginesPath
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

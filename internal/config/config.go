package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/agerwick/backup-retention/internal/pattern"
	"github.com/agerwick/backup-retention/internal/retention"
	"gopkg.in/yaml.v3"
)

const (
	ActionList   = "list"
	ActionMove   = "move"
	ActionDelete = "delete"
)

// LockFileName is created in the backup directory while a move or delete runs.
const LockFileName = ".backup-retention.lock"

type Config struct {
	// Selection
	Directory string `yaml:"directory"`
	Format    string `yaml:"format"`
	TZ        string `yaml:"tz"`

	// Policy
	Retention string `yaml:"retention"`
	Method    string `yaml:"method"`

	// Action
	Action      string `yaml:"action"`
	Destination string `yaml:"destination"`
	Verbose     bool   `yaml:"verbose"`
	LockPath    string `yaml:"lock_path"`

	// Outputs
	ReportPath  string `yaml:"report_path"`
	MetricsPath string `yaml:"metrics_path"`

	// Logging
	LogLevel  string `yaml:"log_level"`
	LogFormat string `yaml:"log_format"`

	// Schedule mode
	Schedule      string        `yaml:"schedule"`
	ServicePort   int           `yaml:"service_port"`
	Watch         bool          `yaml:"watch"`
	WatchDebounce time.Duration `yaml:"watch_debounce"`
}

func DefaultConfig() *Config {
	return &Config{
		Directory:     ".",
		Format:        pattern.DefaultTemplate,
		Retention:     "keep-all",
		Method:        retention.DefaultMethod.String(),
		Action:        ActionList,
		LogLevel:      "INFO",
		LogFormat:     "text",
		Schedule:      "30 0 * * *",
		ServicePort:   8080,
		WatchDebounce: 5 * time.Second,
	}
}

// Load builds the configuration from defaults, the optional YAML file at path and the
// environment, in increasing order of precedence. Command-line flags are applied by the caller.
func Load(path string) (*Config, error) {
	cfg := DefaultConfig()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config file %s: %w", path, err)
		}
	}

	cfg.applyEnv()
	return cfg, nil
}

func (c *Config) applyEnv() {
	c.Directory = getEnvString("BACKUP_RETENTION_DIR", c.Directory)
	c.Format = getEnvString("BACKUP_RETENTION_FORMAT", c.Format)
	c.Retention = getEnvString("BACKUP_RETENTION_POLICY", c.Retention)
	c.Method = getEnvString("BACKUP_RETENTION_METHOD", c.Method)
	c.Action = getEnvString("BACKUP_RETENTION_ACTION", c.Action)
	c.Destination = getEnvString("BACKUP_RETENTION_DESTINATION", c.Destination)
	c.Verbose = getEnvBool("BACKUP_RETENTION_VERBOSE", c.Verbose)
	c.LockPath = getEnvString("BACKUP_RETENTION_LOCK", c.LockPath)
	c.ReportPath = getEnvString("BACKUP_RETENTION_REPORT", c.ReportPath)
	c.MetricsPath = getEnvString("BACKUP_RETENTION_METRICS_FILE", c.MetricsPath)
	c.Schedule = getEnvString("BACKUP_RETENTION_CRON", c.Schedule)
	c.ServicePort = getEnvInt("SERVICE_PORT", c.ServicePort)
	c.Watch = getEnvBool("BACKUP_RETENTION_WATCH", c.Watch)
	c.TZ = getEnvString("TZ", c.TZ)
	c.LogLevel = getEnvString("LOG_LEVEL", c.LogLevel)
	c.LogFormat = getEnvString("LOG_FORMAT", c.LogFormat)
}

// Resolve validates the configuration and makes the directory paths absolute.
func (c *Config) Resolve() error {
	if err := c.Validate(); err != nil {
		return err
	}

	for _, p := range []*string{&c.Directory, &c.Destination, &c.ReportPath, &c.MetricsPath, &c.LockPath} {
		if *p == "" || filepath.IsAbs(*p) {
			continue
		}
		abs, err := filepath.Abs(*p)
		if err != nil {
			return fmt.Errorf("failed to resolve path %s: %w", *p, err)
		}
		*p = abs
	}

	if c.LockPath == "" {
		c.LockPath = filepath.Join(c.Directory, LockFileName)
	}
	return nil
}

func (c *Config) Validate() error {
	if strings.TrimSpace(c.Directory) == "" {
		return fmt.Errorf("directory is required")
	}

	switch c.Action {
	case ActionList, ActionDelete:
	case ActionMove:
		if c.Destination == "" {
			return fmt.Errorf("destination directory required for move action")
		}
	default:
		return fmt.Errorf("invalid action %q (want list, move or delete)", c.Action)
	}

	if _, err := retention.ParseMethod(c.Method); err != nil {
		return err
	}

	if _, err := parseLevel(c.LogLevel); err != nil {
		return err
	}

	switch c.LogFormat {
	case "json", "text":
	default:
		return fmt.Errorf("invalid log format %q (want json or text)", c.LogFormat)
	}

	if c.TZ != "" {
		if _, err := time.LoadLocation(c.TZ); err != nil {
			return fmt.Errorf("invalid timezone %q: %w", c.TZ, err)
		}
	}

	return nil
}

// Policy parses the retention string with the configured method as default.
func (c *Config) Policy() (*retention.Policy, error) {
	method, err := retention.ParseMethod(c.Method)
	if err != nil {
		return nil, err
	}
	return retention.ParsePolicyWithMethod(c.Retention, method)
}

// Location returns the zone backup names are written in. An empty TZ means local time.
func (c *Config) Location() *time.Location {
	if c.TZ == "" {
		return time.Local
	}
	loc, err := time.LoadLocation(c.TZ)
	if err != nil {
		return time.Local
	}
	return loc
}

func getEnvString(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intValue, err := strconv.Atoi(value); err == nil {
			return intValue
		}
	}
	return defaultValue
}

func getEnvBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		if boolValue, err := strconv.ParseBool(value); err == nil {
			return boolValue
		}
	}
	return defaultValue
}

package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"time"

	"github.com/spf13/pflag"
	"github.com/spf13/viper"

	"espcap/internal/errlog"
	"espcap/internal/indexer"
	"espcap/internal/logger"
	"espcap/internal/transform"
)

// EnvPrefix prefixes every environment override, e.g. ESPCAP_INDEX_NODE.
const EnvPrefix = "ESPCAP"

var (
	// ErrNoSource means none of interface, file or dir was given
	ErrNoSource = errors.New("no capture source: give one of --nic, --file or --dir")
	// ErrConflictingSource means more than one source was given
	ErrConflictingSource = errors.New("conflicting capture sources: give only one of --nic, --file or --dir")
)

// SourceMode is the capture source a run uses.
type SourceMode string

const (
	SourceLive SourceMode = "live"
	SourceFile SourceMode = "file"
	SourceDir  SourceMode = "dir"
)

// Config represents the application configuration
type Config struct {
	Logging LoggingConfig `mapstructure:"logging"`
	Capture CaptureConfig `mapstructure:"capture"`
	Index   IndexConfig   `mapstructure:"index"`
	Errors  ErrorsConfig  `mapstructure:"errors"`
	Metrics MetricsConfig `mapstructure:"metrics"`

	// ConfigFile is the file that was read, empty when none was found
	ConfigFile string `mapstructure:"-"`
}

// LoggingConfig controls the application log.
type LoggingConfig struct {
	// Level is the minimum log level to output (debug, info, warn, error)
	Level string `mapstructure:"level"`
	// File is the path to the log file. If empty, logs go to stderr only
	File          string `mapstructure:"file"`
	MaxSizeMB     int    `mapstructure:"max_size_mb"`
	MaxBackups    int    `mapstructure:"max_backups"`
	RetentionDays int    `mapstructure:"retention_days"`
	Compress      bool   `mapstructure:"compress"`
}

// CaptureConfig selects the decoder and the capture source.
type CaptureConfig struct {
	// Decoder is "tshark" or "native"
	Decoder    string `mapstructure:"decoder"`
	TsharkPath string `mapstructure:"tshark_path"`
	Interface  string `mapstructure:"interface"`
	File       string `mapstructure:"file"`
	Dir        string `mapstructure:"dir"`
	BPF        string `mapstructure:"bpf"`
	Count      int    `mapstructure:"count"`
	SnapLen    int    `mapstructure:"snaplen"`
}

// IndexConfig configures the search backend. An empty Node selects dump
// mode.
type IndexConfig struct {
	Node           string        `mapstructure:"node"`
	Username       string        `mapstructure:"username"`
	Password       string        `mapstructure:"password"`
	TLSSkipVerify  bool          `mapstructure:"tls_skip_verify"`
	Prefix         string        `mapstructure:"prefix"`
	Action         string        `mapstructure:"action"`
	ChunkSize      int           `mapstructure:"chunk_size"`
	StopOnError    bool          `mapstructure:"stop_on_error"`
	RequestTimeout time.Duration `mapstructure:"request_timeout"`
	// Template installs the index template before the first session
	Template bool `mapstructure:"template"`
}

// ErrorsConfig locates the packet error log.
type ErrorsConfig struct {
	LogFile string `mapstructure:"log_file"`
}

// MetricsConfig enables the Prometheus endpoint when Addr is set.
type MetricsConfig struct {
	Addr string `mapstructure:"addr"`
}

// FlagKeys maps command line flag names onto config keys.
var FlagKeys = map[string]string{
	"log-level":     "logging.level",
	"decoder":       "capture.decoder",
	"nic":           "capture.interface",
	"file":          "capture.file",
	"dir":           "capture.dir",
	"bpf":           "capture.bpf",
	"count":         "capture.count",
	"node":          "index.node",
	"index-prefix":  "index.prefix",
	"chunk":         "index.chunk_size",
	"stop-on-error": "index.stop_on_error",
	"error-log":     "errors.log_file",
	"metrics-addr":  "metrics.addr",
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.file", "")
	v.SetDefault("logging.max_size_mb", 100)
	v.SetDefault("logging.max_backups", 3)
	v.SetDefault("logging.retention_days", 28)
	v.SetDefault("logging.compress", false)

	v.SetDefault("capture.decoder", "tshark")
	v.SetDefault("capture.tshark_path", "tshark")
	v.SetDefault("capture.interface", "")
	v.SetDefault("capture.file", "")
	v.SetDefault("capture.dir", "")
	v.SetDefault("capture.bpf", "")
	v.SetDefault("capture.count", 0)
	v.SetDefault("capture.snaplen", 262144)

	v.SetDefault("index.node", "")
	v.SetDefault("index.username", "")
	v.SetDefault("index.password", "")
	v.SetDefault("index.tls_skip_verify", false)
	v.SetDefault("index.prefix", transform.DefaultPrefix)
	v.SetDefault("index.action", "index")
	v.SetDefault("index.chunk_size", indexer.DefaultChunkSize)
	v.SetDefault("index.stop_on_error", false)
	v.SetDefault("index.request_timeout", indexer.DefaultRequestTimeout)
	v.SetDefault("index.template", false)

	v.SetDefault("errors.log_file", errlog.DefaultPath)
	v.SetDefault("metrics.addr", "")
}

// Load reads configuration from the config file, ESPCAP_ environment
// variables and the flags in fs, later sources overriding earlier ones.
// Only flags the user actually set override the file and environment.
func Load(configPath string, fs *pflag.FlagSet) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	if configPath != "" {
		v.SetConfigFile(configPath)
	} else {
		v.SetConfigName("espcap")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath("/etc/espcap")
	}

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, fmt.Errorf("failed to read config: %w", err)
		}
	}

	if fs != nil {
		for name, key := range FlagKeys {
			flag := fs.Lookup(name)
			if flag == nil || !flag.Changed {
				continue
			}
			if err := v.BindPFlag(key, flag); err != nil {
				return nil, fmt.Errorf("failed to bind flag %s: %w", name, err)
			}
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}
	cfg.ConfigFile = v.ConfigFileUsed()
	return &cfg, nil
}

// Validate checks option values and returns the selected source mode.
func (c *Config) Validate() (SourceMode, error) {
	mode, err := c.SourceMode()
	if err != nil {
		return "", err
	}
	if mode == SourceLive {
		if err := validateInterfaceName(c.Capture.Interface); err != nil {
			return "", fmt.Errorf("invalid interface '%s': %w", c.Capture.Interface, err)
		}
	}
	if c.Index.ChunkSize < 1 {
		return "", fmt.Errorf("chunk size must be at least 1, got %d", c.Index.ChunkSize)
	}
	if c.Capture.Count < 0 {
		return "", fmt.Errorf("count must not be negative, got %d", c.Capture.Count)
	}
	switch c.Capture.Decoder {
	case "tshark", "native":
	default:
		return "", fmt.Errorf("unknown decoder %q (want tshark or native)", c.Capture.Decoder)
	}
	switch c.Index.Action {
	case "index", "create":
	default:
		return "", fmt.Errorf("unknown bulk action %q (want index or create)", c.Index.Action)
	}
	if _, err := logger.ParseLogLevel(c.Logging.Level); err != nil {
		return "", err
	}
	return mode, nil
}

// SourceMode reports which single capture source is configured.
func (c *Config) SourceMode() (SourceMode, error) {
	var modes []SourceMode
	if c.Capture.Interface != "" {
		modes = append(modes, SourceLive)
	}
	if c.Capture.File != "" {
		modes = append(modes, SourceFile)
	}
	if c.Capture.Dir != "" {
		modes = append(modes, SourceDir)
	}
	switch len(modes) {
	case 0:
		return "", ErrNoSource
	case 1:
		return modes[0], nil
	}
	return "", ErrConflictingSource
}

// InitializeLogging sets up logging based on config
func (c *Config) InitializeLogging() error {
	level, err := logger.ParseLogLevel(c.Logging.Level)
	if err != nil {
		return fmt.Errorf("invalid log level: %v", err)
	}

	if c.Logging.File != "" {
		if err := os.MkdirAll(filepath.Dir(c.Logging.File), 0755); err != nil {
			return fmt.Errorf("failed to create log directory: %v", err)
		}
	}

	logConfig := logger.Config{
		LogLevel:      level,
		LogFile:       c.Logging.File,
		MaxSizeMB:     c.Logging.MaxSizeMB,
		MaxBackups:    c.Logging.MaxBackups,
		RetentionDays: c.Logging.RetentionDays,
		Compress:      c.Logging.Compress,
	}
	if err := logger.Initialize(logConfig); err != nil {
		return fmt.Errorf("failed to initialize logger: %v", err)
	}
	return nil
}

// interfaceNamePattern allows the characters seen in Linux, BSD and
// macOS interface names. The name is handed to an external tool.
var interfaceNamePattern = regexp.MustCompile(`^[a-zA-Z0-9._-]+$`)

func validateInterfaceName(name string) error {
	if name == "" {
		return errors.New("interface name cannot be empty")
	}
	if len(name) > 255 {
		return fmt.Errorf("interface name too long: %d characters", len(name))
	}
	if strings.Contains(name, "..") || !interfaceNamePattern.MatchString(name) {
		return errors.New("interface name contains invalid characters")
	}
	return nil
}

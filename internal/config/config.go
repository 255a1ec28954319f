package config

import (
	"errors"
	"flag"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/joho/godotenv"
	"go.uber.org/zap/zapcore"
)

const envPrefix = "ENHANCER_"

// Config holds application configuration.
type Config struct {
	Port              int           `toml:"port"`
	APIBaseURL        string        `toml:"api_base_url"`
	PollInterval      time.Duration `toml:"poll_interval"`
	RetryInterval     time.Duration `toml:"retry_interval"`
	RequestTimeout    time.Duration `toml:"request_timeout"`
	RateLimit         float64       `toml:"rate_limit"`
	RateBurst         int           `toml:"rate_burst"`
	MaxFileSize       int64         `toml:"max_file_size"`
	AllowedTypes      []string      `toml:"allowed_types"`
	UploadConcurrency int           `toml:"upload_concurrency"`
	DBPath            string        `toml:"db_path"`
	Factor            string        `toml:"factor"`
	LogLevel          string        `toml:"log_level"`
}

// Default returns the built-in configuration.
func Default() *Config {
	return &Config{
		Port:              8080,
		APIBaseURL:        "http://localhost:8000",
		PollInterval:      2 * time.Second,
		RetryInterval:     5 * time.Second,
		RequestTimeout:    60 * time.Second,
		RateLimit:         10,
		RateBurst:         5,
		MaxFileSize:       50 << 20,
		AllowedTypes:      []string{"image/jpeg", "image/png", "image/webp"},
		UploadConcurrency: 4,
		DBPath:            DefaultDBPath(),
		Factor:            "4x",
		LogLevel:          "info",
	}
}

// DefaultDBPath returns the default history database path using XDG_CACHE_HOME.
func DefaultDBPath() string {
	cacheDir := os.Getenv("XDG_CACHE_HOME")
	if cacheDir == "" {
		home, _ := os.UserHomeDir()
		cacheDir = filepath.Join(home, ".cache")
	}
	return filepath.Join(cacheDir, "enhancer", "history.db")
}

// DefaultConfigPath returns the default config file path using XDG_CONFIG_HOME.
func DefaultConfigPath() string {
	configDir := os.Getenv("XDG_CONFIG_HOME")
	if configDir == "" {
		home, _ := os.UserHomeDir()
		configDir = filepath.Join(home, ".config")
	}
	return filepath.Join(configDir, "enhancer", "config.toml")
}

// Load builds Config from defaults, the TOML file, a .env file, ENHANCER_* environment
// variables and command line flags, each layer overriding the previous one.
func Load(args []string) (*Config, error) {
	flags := flag.NewFlagSet("enhancer", flag.ContinueOnError)
	flags.SetOutput(io.Discard)

	var fl Config
	var allowed string
	configPath := flags.String("config", DefaultConfigPath(), "TOML config file")
	envFile := flags.String("env-file", ".env", "dotenv file")
	flags.IntVar(&fl.Port, "port", 0, "HTTP server port")
	flags.StringVar(&fl.APIBaseURL, "api-url", "", "Enhancement service base URL")
	flags.DurationVar(&fl.PollInterval, "poll-interval", 0, "Status poll interval")
	flags.DurationVar(&fl.RetryInterval, "retry-interval", 0, "Delay after a failed status query")
	flags.DurationVar(&fl.RequestTimeout, "request-timeout", 0, "Per-request timeout")
	flags.Float64Var(&fl.RateLimit, "rate-limit", 0, "Requests per second to the service (0 disables)")
	flags.IntVar(&fl.RateBurst, "rate-burst", 0, "Request burst size")
	flags.Int64Var(&fl.MaxFileSize, "max-file-size", 0, "Maximum upload size in bytes")
	flags.StringVar(&allowed, "allowed-types", "", "Comma-separated accepted MIME types")
	flags.IntVar(&fl.UploadConcurrency, "upload-concurrency", 0, "Parallel uploads per batch")
	flags.StringVar(&fl.DBPath, "db", "", "SQLite history path (empty disables history)")
	flags.StringVar(&fl.Factor, "factor", "", "Upscale factor used in exported file names (2x, 4x, 8x)")
	flags.StringVar(&fl.LogLevel, "log-level", "", "Log level")
	if err := flags.Parse(args); err != nil {
		return nil, err
	}

	set := make(map[string]bool)
	flags.Visit(func(f *flag.Flag) { set[f.Name] = true })

	cfg := Default()

	if err := cfg.loadFile(*configPath, set["config"]); err != nil {
		return nil, err
	}
	if err := loadDotenv(*envFile, set["env-file"]); err != nil {
		return nil, err
	}
	if err := cfg.loadEnv(); err != nil {
		return nil, err
	}

	// Flags
	if set["port"] {
		cfg.Port = fl.Port
	}
	if set["api-url"] {
		cfg.APIBaseURL = fl.APIBaseURL
	}
	if set["poll-interval"] {
		cfg.PollInterval = fl.PollInterval
	}
	if set["retry-interval"] {
		cfg.RetryInterval = fl.RetryInterval
	}
	if set["request-timeout"] {
		cfg.RequestTimeout = fl.RequestTimeout
	}
	if set["rate-limit"] {
		cfg.RateLimit = fl.RateLimit
	}
	if set["rate-burst"] {
		cfg.RateBurst = fl.RateBurst
	}
	if set["max-file-size"] {
		cfg.MaxFileSize = fl.MaxFileSize
	}
	if set["allowed-types"] {
		cfg.AllowedTypes = splitList(allowed)
	}
	if set["upload-concurrency"] {
		cfg.UploadConcurrency = fl.UploadConcurrency
	}
	if set["db"] {
		cfg.DBPath = fl.DBPath
	}
	if set["factor"] {
		cfg.Factor = fl.Factor
	}
	if set["log-level"] {
		cfg.LogLevel = fl.LogLevel
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) loadFile(path string, required bool) error {
	if path == "" {
		return nil
	}
	_, err := toml.DecodeFile(path, c)
	if errors.Is(err, fs.ErrNotExist) && !required {
		return nil
	}
	if err != nil {
		return fmt.Errorf("config file %s: %w", path, err)
	}
	return nil
}

// loadDotenv exports variables from path without overriding the real environment.
func loadDotenv(path string, required bool) error {
	if path == "" {
		return nil
	}
	err := godotenv.Load(path)
	if errors.Is(err, fs.ErrNotExist) && !required {
		return nil
	}
	if err != nil {
		return fmt.Errorf("env file %s: %w", path, err)
	}
	return nil
}

func (c *Config) loadEnv() error {
	var errs []error
	env := func(name string) (string, bool) {
		return os.LookupEnv(envPrefix + name)
	}

	if v, ok := env("PORT"); ok {
		n, err := strconv.Atoi(v)
		errs = append(errs, envErr("PORT", err))
		c.Port = n
	}
	if v, ok := env("API_URL"); ok {
		c.APIBaseURL = v
	}
	for name, dst := range map[string]*time.Duration{
		"POLL_INTERVAL":   &c.PollInterval,
		"RETRY_INTERVAL":  &c.RetryInterval,
		"REQUEST_TIMEOUT": &c.RequestTimeout,
	} {
		if v, ok := env(name); ok {
			d, err := time.ParseDuration(v)
			errs = append(errs, envErr(name, err))
			*dst = d
		}
	}
	if v, ok := env("RATE_LIMIT"); ok {
		f, err := strconv.ParseFloat(v, 64)
		errs = append(errs, envErr("RATE_LIMIT", err))
		c.RateLimit = f
	}
	if v, ok := env("RATE_BURST"); ok {
		n, err := strconv.Atoi(v)
		errs = append(errs, envErr("RATE_BURST", err))
		c.RateBurst = n
	}
	if v, ok := env("MAX_FILE_SIZE"); ok {
		n, err := strconv.ParseInt(v, 10, 64)
		errs = append(errs, envErr("MAX_FILE_SIZE", err))
		c.MaxFileSize = n
	}
	if v, ok := env("ALLOWED_TYPES"); ok {
		c.AllowedTypes = splitList(v)
	}
	if v, ok := env("UPLOAD_CONCURRENCY"); ok {
		n, err := strconv.Atoi(v)
		errs = append(errs, envErr("UPLOAD_CONCURRENCY", err))
		c.UploadConcurrency = n
	}
	if v, ok := env("DB"); ok {
		c.DBPath = v
	}
	if v, ok := env("FACTOR"); ok {
		c.Factor = v
	}
	if v, ok := env("LOG_LEVEL"); ok {
		c.LogLevel = v
	}
	return errors.Join(errs...)
}

func envErr(name string, err error) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%s%s: %w", envPrefix, name, err)
}

// Validate checks that the configuration is usable.
func (c *Config) Validate() error {
	var errs []error
	if c.Port < 1 || c.Port > 65535 {
		errs = append(errs, fmt.Errorf("port %d out of range", c.Port))
	}
	if c.APIBaseURL == "" {
		errs = append(errs, errors.New("api_base_url is required"))
	}
	if c.PollInterval <= 0 {
		errs = append(errs, errors.New("poll_interval must be positive"))
	}
	if c.RetryInterval <= 0 {
		errs = append(errs, errors.New("retry_interval must be positive"))
	}
	if c.RequestTimeout <= 0 {
		errs = append(errs, errors.New("request_timeout must be positive"))
	}
	if c.RateLimit < 0 {
		errs = append(errs, errors.New("rate_limit must not be negative"))
	}
	if c.MaxFileSize <= 0 {
		errs = append(errs, errors.New("max_file_size must be positive"))
	}
	if len(c.AllowedTypes) == 0 {
		errs = append(errs, errors.New("allowed_types must not be empty"))
	}
	if c.UploadConcurrency < 1 {
		errs = append(errs, errors.New("upload_concurrency must be at least 1"))
	}
	switch c.Factor {
	case "2x", "4x", "8x":
	default:
		errs = append(errs, fmt.Errorf("factor %q must be one of 2x, 4x, 8x", c.Factor))
	}
	if _, err := zapcore.ParseLevel(c.LogLevel); err != nil {
		errs = append(errs, fmt.Errorf("log_level: %w", err))
	}
	return errors.Join(errs...)
}

// Addr returns the listen address for the HTTP server.
func (c *Config) Addr() string {
	return fmt.Sprintf(":%d", c.Port)
}

// HistoryEnabled reports whether outcomes are journaled.
func (c *Config) HistoryEnabled() bool {
	return c.DBPath != ""
}

func splitList(s string) []string {
	var out []string
	for _, p := range strings.Split(s, ",") {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}

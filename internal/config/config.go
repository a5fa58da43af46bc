package config

import (
	"errors"
	"fmt"
	"io/fs"
	"net/url"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

const (
	defaultOllamaHost   = "http://ollama:11434"
	defaultModel        = "llama3"
	defaultPort         = 8000
	defaultLogLevel     = "INFO"
	defaultLogFormat    = "json"
	defaultTimeout      = 60 * time.Second
	defaultMaxAttempts  = 3
	defaultAllowOrigins = "*"
)

var validLogLevels = map[string]struct{}{
	"DEBUG":    {},
	"INFO":     {},
	"WARNING":  {},
	"WARN":     {},
	"ERROR":    {},
	"CRITICAL": {},
}

// Config is the process-wide configuration. It is built once at startup and
// handed to constructors by value; nothing mutates it afterwards.
type Config struct {
	Server ServerConfig `yaml:"server"`
	Ollama OllamaConfig `yaml:"ollama"`
	Auth   AuthConfig   `yaml:"auth"`
	Log    LogConfig    `yaml:"log"`
}

// ServerConfig defines listener configuration.
type ServerConfig struct {
	Port             int      `yaml:"port"`
	CORSAllowOrigins []string `yaml:"cors_allow_origins"`
}

// OllamaConfig describes the upstream inference backend.
type OllamaConfig struct {
	Host         string        `yaml:"host"`
	DefaultModel string        `yaml:"default_model"`
	Timeout      time.Duration `yaml:"timeout"`
	MaxAttempts  int           `yaml:"max_attempts"`
}

// AuthConfig holds the static bearer-token gate settings.
type AuthConfig struct {
	Enabled bool   `yaml:"enabled"`
	APIKey  string `yaml:"api_key"`
}

// LogConfig controls logger construction.
type LogConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
	File   string `yaml:"file"`
}

// Default returns the configuration used when no file or environment overrides exist.
func Default() Config {
	return Config{
		Server: ServerConfig{
			Port:             defaultPort,
			CORSAllowOrigins: []string{defaultAllowOrigins},
		},
		Ollama: OllamaConfig{
			Host:         defaultOllamaHost,
			DefaultModel: defaultModel,
			Timeout:      defaultTimeout,
			MaxAttempts:  defaultMaxAttempts,
		},
		Log: LogConfig{
			Level:  defaultLogLevel,
			Format: defaultLogFormat,
		},
	}
}

// Load builds the configuration from defaults, an optional YAML file, a .env
// file in the working directory and finally the process environment.
func Load(path string) (Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return Config{}, fmt.Errorf("load .env file: %w", err)
	}

	cfg := Default()

	if path != "" {
		absPath, err := filepath.Abs(path)
		if err != nil {
			return Config{}, fmt.Errorf("resolve config path: %w", err)
		}

		data, err := os.ReadFile(absPath)
		if err != nil {
			return Config{}, fmt.Errorf("read config file %q: %w", absPath, err)
		}

		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return Config{}, fmt.Errorf("parse config file %q: %w", absPath, err)
		}
	}

	if err := cfg.applyEnv(os.LookupEnv); err != nil {
		return Config{}, err
	}

	cfg.normalise()

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

type lookupFunc func(key string) (string, bool)

func (c *Config) applyEnv(lookup lookupFunc) error {
	if v, ok := lookup("OLLAMA_HOST"); ok {
		c.Ollama.Host = v
	}
	if v, ok := lookup("OLLAMA_DEFAULT_MODEL"); ok {
		c.Ollama.DefaultModel = v
	}
	if v, ok := lookup("API_PORT"); ok {
		port, err := strconv.Atoi(strings.TrimSpace(v))
		if err != nil {
			return fmt.Errorf("API_PORT must be an integer, got %q", v)
		}
		c.Server.Port = port
	}
	if v, ok := lookup("ENABLE_AUTH"); ok {
		c.Auth.Enabled = strings.EqualFold(strings.TrimSpace(v), "true")
	}
	if v, ok := lookup("API_KEY"); ok {
		c.Auth.APIKey = v
	}
	if v, ok := lookup("LOG_LEVEL"); ok {
		c.Log.Level = v
	}
	if v, ok := lookup("LOG_FORMAT"); ok {
		c.Log.Format = v
	}
	if v, ok := lookup("LOG_FILE"); ok {
		c.Log.File = v
	}
	if v, ok := lookup("UPSTREAM_TIMEOUT"); ok {
		d, err := time.ParseDuration(strings.TrimSpace(v))
		if err != nil {
			return fmt.Errorf("UPSTREAM_TIMEOUT must be a duration: %w", err)
		}
		c.Ollama.Timeout = d
	}
	if v, ok := lookup("UPSTREAM_MAX_ATTEMPTS"); ok {
		n, err := strconv.Atoi(strings.TrimSpace(v))
		if err != nil {
			return fmt.Errorf("UPSTREAM_MAX_ATTEMPTS must be an integer, got %q", v)
		}
		c.Ollama.MaxAttempts = n
	}
	if v, ok := lookup("CORS_ALLOW_ORIGINS"); ok {
		c.Server.CORSAllowOrigins = splitList(v)
	}
	return nil
}

func (c *Config) normalise() {
	c.Ollama.Host = strings.TrimRight(strings.TrimSpace(c.Ollama.Host), "/")
	c.Log.Level = strings.ToUpper(strings.TrimSpace(c.Log.Level))
	c.Log.Format = strings.ToLower(strings.TrimSpace(c.Log.Format))
	if len(c.Server.CORSAllowOrigins) == 0 {
		c.Server.CORSAllowOrigins = []string{defaultAllowOrigins}
	}
}

// Validate performs strict sanity checks on the configuration.
func (c Config) Validate() error {
	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		return fmt.Errorf("server.port must be a valid TCP port, got %d", c.Server.Port)
	}

	if strings.TrimSpace(c.Ollama.Host) == "" {
		return errors.New("ollama.host must be provided")
	}
	u, err := url.Parse(c.Ollama.Host)
	if err != nil || u.Scheme == "" || u.Host == "" {
		return fmt.Errorf("ollama.host %q must be an absolute http(s) URL", c.Ollama.Host)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return fmt.Errorf("ollama.host %q must use http or https", c.Ollama.Host)
	}
	if c.Ollama.Timeout <= 0 {
		return fmt.Errorf("ollama.timeout must be positive, got %s", c.Ollama.Timeout)
	}
	if c.Ollama.MaxAttempts < 1 {
		return fmt.Errorf("ollama.max_attempts must be at least 1, got %d", c.Ollama.MaxAttempts)
	}

	if c.Auth.Enabled && strings.TrimSpace(c.Auth.APIKey) == "" {
		return errors.New("auth.api_key must be provided when auth is enabled")
	}

	if _, ok := validLogLevels[strings.ToUpper(c.Log.Level)]; !ok {
		return fmt.Errorf("log.level %q must be one of DEBUG, INFO, WARNING, ERROR, CRITICAL", c.Log.Level)
	}
	switch strings.ToLower(c.Log.Format) {
	case "json", "console":
	default:
		return fmt.Errorf("log.format %q must be json or console", c.Log.Format)
	}

	return nil
}

func splitList(v string) []string {
	parts := strings.Split(v, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}

package config

import (
	"errors"
	"fmt"
	"net"
	"os"
	"strconv"
	"strings"

	"github.com/BurntSushi/toml"
)

const (
	DefaultHost          = "localhost"
	DefaultPort          = 8765
	DefaultBackend       = "openai"
	DefaultTimeoutMs     = 2 * 60 * 1000
	DefaultQueueSize     = 256
	DefaultMaxFrameBytes = 16 << 20
	DefaultLogLevel      = "info"
	DefaultConfigFile    = "rpcrelay.toml"
)

type ServerConfig struct {
	Host          string `toml:"host"`
	Port          int    `toml:"port"`
	QueueSize     int    `toml:"queue_size"`
	MaxFrameBytes int64  `toml:"max_frame_bytes"`
}

type CompletionConfig struct {
	Backend      string `toml:"backend"`
	APIKey       string `toml:"api_key"`
	Model        string `toml:"model"`
	BaseURL      string `toml:"base_url"`
	SystemPrompt string `toml:"system_prompt"`
	TimeoutMs    int    `toml:"timeout_ms"`
}

type LoggingConfig struct {
	Level string `toml:"level"`
	File  string `toml:"file"`
}

type Config struct {
	Server     ServerConfig     `toml:"server"`
	Completion CompletionConfig `toml:"completion"`
	Logging    LoggingConfig    `toml:"logging"`
}

func Default() Config {
	return Config{
		Server: ServerConfig{
			Host:          DefaultHost,
			Port:          DefaultPort,
			QueueSize:     DefaultQueueSize,
			MaxFrameBytes: DefaultMaxFrameBytes,
		},
		Completion: CompletionConfig{
			Backend:   DefaultBackend,
			TimeoutMs: DefaultTimeoutMs,
		},
		Logging: LoggingConfig{Level: DefaultLogLevel},
	}
}

// Load resolves defaults, then the TOML file at path, then environment
// overrides. An empty path falls back to $RPCRELAY_CONFIG and then to
// DefaultConfigFile; only an explicitly named file has to exist.
func Load(path string) (Config, error) {
	cfg := Default()

	explicit := strings.TrimSpace(path) != ""
	if !explicit {
		if v := strings.TrimSpace(os.Getenv("RPCRELAY_CONFIG")); v != "" {
			path, explicit = v, true
		} else {
			path = DefaultConfigFile
		}
	}
	if err := loadFile(path, &cfg); err != nil {
		if explicit || !errors.Is(err, os.ErrNotExist) {
			return cfg, err
		}
	}

	applyEnv(&cfg)
	return cfg, nil
}

func loadFile(path string, cfg *Config) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	if _, err := toml.Decode(string(data), cfg); err != nil {
		return fmt.Errorf("parse %s: %w", path, err)
	}
	return nil
}

func applyEnv(cfg *Config) {
	setString(&cfg.Server.Host, "RPCRELAY_HOST")
	setInt(&cfg.Server.Port, "RPCRELAY_PORT")
	setInt(&cfg.Server.QueueSize, "RPCRELAY_QUEUE_SIZE")

	setString(&cfg.Completion.Backend, "RPCRELAY_BACKEND")
	setString(&cfg.Completion.Model, "RPCRELAY_MODEL")
	setString(&cfg.Completion.BaseURL, "RPCRELAY_BASE_URL")
	setInt(&cfg.Completion.TimeoutMs, "RPCRELAY_TIMEOUT_MS")
	setString(&cfg.Completion.APIKey, "RPCRELAY_API_KEY")
	if strings.TrimSpace(cfg.Completion.APIKey) == "" {
		setString(&cfg.Completion.APIKey, "OPENAI_API_KEY")
	}

	setString(&cfg.Logging.Level, "RPCRELAY_LOG_LEVEL")
	setString(&cfg.Logging.File, "RPCRELAY_LOG_FILE")
}

func setString(dst *string, key string) {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		*dst = v
	}
}

func setInt(dst *int, key string) {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		if parsed, err := strconv.Atoi(v); err == nil {
			*dst = parsed
		}
	}
}

// Validate checks the parts of the config needed to serve.
func (c Config) Validate() error {
	if c.Server.Port < 0 || c.Server.Port > 65535 {
		return fmt.Errorf("server.port out of range: %d", c.Server.Port)
	}
	if c.Server.QueueSize <= 0 {
		return fmt.Errorf("server.queue_size must be positive, got %d", c.Server.QueueSize)
	}
	if c.Server.MaxFrameBytes <= 0 {
		return fmt.Errorf("server.max_frame_bytes must be positive, got %d", c.Server.MaxFrameBytes)
	}
	if c.Completion.TimeoutMs < 0 {
		return fmt.Errorf("completion.timeout_ms must not be negative, got %d", c.Completion.TimeoutMs)
	}
	switch strings.ToLower(strings.TrimSpace(c.Completion.Backend)) {
	case "echo":
	case "openai":
		if strings.TrimSpace(c.Completion.APIKey) == "" {
			return fmt.Errorf("completion backend %q requires an API key (RPCRELAY_API_KEY or OPENAI_API_KEY)", c.Completion.Backend)
		}
	case "agentkit":
		// The agentkit backend also reads DASHSCOPE_API_KEY on its own.
		if strings.TrimSpace(c.Completion.APIKey) == "" && strings.TrimSpace(os.Getenv("DASHSCOPE_API_KEY")) == "" {
			return fmt.Errorf("completion backend %q requires an API key (RPCRELAY_API_KEY, OPENAI_API_KEY or DASHSCOPE_API_KEY)", c.Completion.Backend)
		}
	default:
		return fmt.Errorf("unknown completion backend %q", c.Completion.Backend)
	}
	return nil
}

func (c Config) Addr() string {
	return net.JoinHostPort(c.Server.Host, strconv.Itoa(c.Server.Port))
}

// URL is the WebSocket URL a local client uses to reach the server.
func (c Config) URL() string {
	host := c.Server.Host
	if host == "" || host == "0.0.0.0" || host == "::" {
		host = "localhost"
	}
	return "ws://" + net.JoinHostPort(host, strconv.Itoa(c.Server.Port))
}

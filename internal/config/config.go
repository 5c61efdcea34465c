// Package config provides configuration directory management and runtime settings for gx-tunnel.
package config

import (
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/joho/godotenv"
)

// Config holds the settings used by the serve command and the tunnel server.
// Values are resolved once at startup and are not reloaded while running.
type Config struct {
	BindAddress      string
	Port             int
	DefaultTarget    string
	UserDBPath       string
	StatsDBPath      string
	LogDir           string
	LogLevel         string
	StatusAddress    string
	DialTimeout      time.Duration
	HandshakeTimeout time.Duration
	PollInterval     time.Duration
	IdleLimit        int
	AcceptRate       float64
	LegacyHandshake  bool
	StatsInterval    time.Duration
}

// Default configuration values.
const (
	DefaultBindAddress      = "0.0.0.0"
	DefaultPort             = 8080
	DefaultTarget           = "127.0.0.1:22"
	DefaultDialTimeout      = 10 * time.Second
	DefaultHandshakeTimeout = 60 * time.Second
	DefaultPollInterval     = 3 * time.Second
	DefaultIdleLimit        = 60
	DefaultStatsInterval    = 10 * time.Second
)

// Load reads an optional .env file from the working directory and returns a Config
// populated from defaults and GX_TUNNEL_* environment variables. Command-line flags
// are applied on top of the returned value by the caller.
func Load() (*Config, error) {
	_ = godotenv.Load()

	userDB, err := GetUserDBPath()
	if err != nil {
		return nil, err
	}
	statsDB, err := GetStatsDBPath()
	if err != nil {
		return nil, err
	}
	configDir, err := GetConfigDir()
	if err != nil {
		return nil, err
	}

	return &Config{
		BindAddress:      getEnv("GX_TUNNEL_BIND", DefaultBindAddress),
		Port:             getEnvInt("GX_TUNNEL_PORT", DefaultPort),
		DefaultTarget:    getEnv("GX_TUNNEL_DEFAULT_TARGET", DefaultTarget),
		UserDBPath:       getEnv("GX_TUNNEL_USER_DB", userDB),
		StatsDBPath:      getEnv("GX_TUNNEL_STATS_DB", statsDB),
		LogDir:           getEnv("GX_TUNNEL_LOG_DIR", filepath.Join(configDir, "logs")),
		LogLevel:         getEnv("GX_TUNNEL_LOG_LEVEL", "info"),
		StatusAddress:    getEnv("GX_TUNNEL_STATUS_ADDR", ""),
		DialTimeout:      getEnvDuration("GX_TUNNEL_DIAL_TIMEOUT", DefaultDialTimeout),
		HandshakeTimeout: getEnvDuration("GX_TUNNEL_HANDSHAKE_TIMEOUT", DefaultHandshakeTimeout),
		PollInterval:     getEnvDuration("GX_TUNNEL_POLL_INTERVAL", DefaultPollInterval),
		IdleLimit:        getEnvInt("GX_TUNNEL_IDLE_LIMIT", DefaultIdleLimit),
		AcceptRate:       getEnvFloat("GX_TUNNEL_ACCEPT_RATE", 0),
		LegacyHandshake:  getEnvBool("GX_TUNNEL_LEGACY_HANDSHAKE", false),
		StatsInterval:    getEnvDuration("GX_TUNNEL_STATS_INTERVAL", DefaultStatsInterval),
	}, nil
}

// GetConfigDir returns the configuration directory for gx-tunnel.
// It follows platform-specific conventions:
// - Windows: %APPDATA%\gx-tunnel
// - Unix-like: $XDG_CONFIG_HOME/gx-tunnel or $HOME/.config/gx-tunnel
func GetConfigDir() (string, error) {
	var configDir string

	if xdgConfig := os.Getenv("XDG_CONFIG_HOME"); xdgConfig != "" {
		configDir = filepath.Join(xdgConfig, "gx-tunnel")
	} else if appData := os.Getenv("APPDATA"); appData != "" {
		configDir = filepath.Join(appData, "gx-tunnel")
	} else if homeDir, err := os.UserHomeDir(); err == nil {
		configDir = filepath.Join(homeDir, ".config", "gx-tunnel")
	} else {
		return "", err
	}

	if err := os.MkdirAll(configDir, 0755); err != nil {
		return "", err
	}

	return configDir, nil
}

// GetUserDBPath returns the full path to the user database file in the config directory.
func GetUserDBPath() (string, error) {
	configDir, err := GetConfigDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(configDir, "users.json"), nil
}

// GetStatsDBPath returns the full path to the usage statistics database in the config directory.
func GetStatsDBPath() (string, error) {
	configDir, err := GetConfigDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(configDir, "statistics.db"), nil
}

func getEnv(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func getEnvInt(key string, def int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return def
}

func getEnvFloat(key string, def float64) float64 {
	if v := os.Getenv(key); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			return f
		}
	}
	return def
}

func getEnvBool(key string, def bool) bool {
	if v := os.Getenv(key); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			return b
		}
	}
	return def
}

func getEnvDuration(key string, def time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return def
}

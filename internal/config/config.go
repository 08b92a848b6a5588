package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// Config aggregates every setting the realtime backend needs.
type Config struct {
	Server    ServerConfig
	Store     StoreConfig
	Session   SessionConfig
	Device    DeviceConfig
	Isolation IsolationConfig
}

// Load reads configuration from environment variables.
func Load() (*Config, error) {
	server, err := loadServerConfig()
	if err != nil {
		return nil, err
	}

	store := loadStoreConfig()

	session, err := loadSessionConfig()
	if err != nil {
		return nil, err
	}

	device, err := loadDeviceConfig()
	if err != nil {
		return nil, err
	}

	isolation, err := loadIsolationConfig()
	if err != nil {
		return nil, err
	}

	return &Config{
		Server:    server,
		Store:     store,
		Session:   session,
		Device:    device,
		Isolation: isolation,
	}, nil
}

// ServerConfig describes the HTTP listener.
type ServerConfig struct {
	Addr string
}

func loadServerConfig() (ServerConfig, error) {
	port := strings.TrimSpace(os.Getenv("PORT"))
	if port == "" {
		port = "8080"
	}

	if strings.Contains(port, ":") {
		// Accept ":8080" or "127.0.0.1:8080" as-is.
		return ServerConfig{Addr: port}, nil
	}

	if strings.Contains(port, " ") {
		return ServerConfig{}, fmt.Errorf("invalid PORT value: %q", port)
	}

	return ServerConfig{Addr: ":" + port}, nil
}

// StoreConfig describes the external history stores. Redis is optional; when
// RedisAddr is empty the backend runs on in-memory device history.
type StoreConfig struct {
	RedisAddr     string
	RedisPassword string
	SQLitePath    string
}

func loadStoreConfig() StoreConfig {
	return StoreConfig{
		RedisAddr:     strings.TrimSpace(os.Getenv("REDIS_ADDR")),
		RedisPassword: os.Getenv("REDIS_PASSWORD"),
		SQLitePath:    getEnvOrDefault("HISTORY_DB_PATH", "ecosense.db"),
	}
}

// SessionConfig describes how login sessions are resolved.
type SessionConfig struct {
	CookieName string
	TokenTTL   time.Duration
}

func loadSessionConfig() (SessionConfig, error) {
	ttl, err := parseDurationEnv("SESSION_TTL", 7*24*time.Hour)
	if err != nil {
		return SessionConfig{}, err
	}
	return SessionConfig{
		CookieName: getEnvOrDefault("SESSION_COOKIE_NAME", "ecosense.sid"),
		TokenTTL:   ttl,
	}, nil
}

// DeviceConfig tunes the device lifecycle sweep.
type DeviceConfig struct {
	SweepInterval time.Duration
	IdleTimeout   time.Duration
}

func loadDeviceConfig() (DeviceConfig, error) {
	sweep, err := parseDurationEnv("DEVICE_SWEEP_INTERVAL", 5*time.Minute)
	if err != nil {
		return DeviceConfig{}, err
	}
	idle, err := parseDurationEnv("DEVICE_IDLE_TIMEOUT", 30*time.Minute)
	if err != nil {
		return DeviceConfig{}, err
	}
	return DeviceConfig{SweepInterval: sweep, IdleTimeout: idle}, nil
}

// IsolationConfig enables the optional per-device worker process mode.
type IsolationConfig struct {
	Enabled   bool
	WorkerBin string
	BasePort  int
}

func loadIsolationConfig() (IsolationConfig, error) {
	enabled, err := parseBoolEnv("ISOLATION_ENABLED", false)
	if err != nil {
		return IsolationConfig{}, err
	}

	basePort := 3000
	if override, err := parseOptionalIntEnv("ISOLATION_BASE_PORT"); err != nil {
		return IsolationConfig{}, err
	} else if override != nil {
		basePort = *override
	}

	cfg := IsolationConfig{
		Enabled:   enabled,
		WorkerBin: getEnvOrDefault("ISOLATION_WORKER_BIN", "ecosense-worker"),
		BasePort:  basePort,
	}
	if cfg.Enabled && cfg.WorkerBin == "" {
		return IsolationConfig{}, fmt.Errorf("ISOLATION_WORKER_BIN is required when isolation is enabled")
	}
	return cfg, nil
}

func getEnvOrDefault(key, defaultValue string) string {
	if value := strings.TrimSpace(os.Getenv(key)); value != "" {
		return value
	}
	return defaultValue
}

func parseBoolEnv(key string, defaultValue bool) (bool, error) {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		return defaultValue, nil
	}

	val, err := strconv.ParseBool(raw)
	if err != nil {
		return false, fmt.Errorf("invalid %s value %q: %w", key, raw, err)
	}
	return val, nil
}

func parseOptionalIntEnv(key string) (*int, error) {
	raw, ok := os.LookupEnv(key)
	if !ok {
		return nil, nil
	}

	value := strings.TrimSpace(raw)
	if value == "" {
		return nil, nil
	}

	val, err := strconv.Atoi(value)
	if err != nil {
		return nil, fmt.Errorf("invalid %s value %q: %w", key, value, err)
	}
	return &val, nil
}

func parseDurationEnv(key string, defaultValue time.Duration) (time.Duration, error) {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		return defaultValue, nil
	}

	val, err := time.ParseDuration(raw)
	if err != nil {
		return 0, fmt.Errorf("invalid %s value %q: %w", key, raw, err)
	}
	return val, nil
}

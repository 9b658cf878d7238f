package config

import (
	"fmt"
	"os"
	"strconv"
	"time"
)

type Config struct {
	AppEnv            string
	AppName           string
	HTTPPort          string
	MetricsPort       string
	JWTSecret         string
	LogLevel          string
	AllowedOrigins    string
	ServerVersion     string
	MaxConnsPerIP     int
	MaxConnsPerSub    int
	IdleSweepMinutes  int
	HandshakeTimeout  time.Duration
	SnapshotBaseURL   string
	SnapshotTimeout   time.Duration
	RedisHost         string
	RedisPort         string
	RedisPassword     string
	RedisDB           int
	PriceInterval     time.Duration
	FXInterval        time.Duration
	NewsInterval      time.Duration
	SignalsInterval   time.Duration
	StatusInterval    time.Duration
	HeartbeatInterval time.Duration
}

func Load() (*Config, error) {
	cfg := &Config{
		AppEnv:          os.Getenv("APP_ENV"),
		AppName:         os.Getenv("APP_NAME"),
		HTTPPort:        os.Getenv("HTTP_PORT"),
		MetricsPort:     os.Getenv("METRICS_PORT"),
		JWTSecret:       os.Getenv("JWT_SECRET"),
		LogLevel:        os.Getenv("LOG_LEVEL"),
		AllowedOrigins:  os.Getenv("ALLOWED_ORIGINS"),
		ServerVersion:   os.Getenv("SERVER_VERSION"),
		SnapshotBaseURL: os.Getenv("SNAPSHOT_BASE_URL"),
		RedisHost:       os.Getenv("REDIS_HOST"),
		RedisPort:       os.Getenv("REDIS_PORT"),
		RedisPassword:   os.Getenv("REDIS_PASSWORD"),
	}
	if cfg.AppName == "" {
		cfg.AppName = "marketgate"
	}
	if cfg.HTTPPort == "" {
		cfg.HTTPPort = "8090"
	}
	if cfg.MetricsPort == "" {
		cfg.MetricsPort = "9090"
	}
	if cfg.ServerVersion == "" {
		cfg.ServerVersion = "dev"
	}
	if cfg.RedisPort == "" {
		cfg.RedisPort = "6379"
	}

	var err error
	cfg.MaxConnsPerIP, err = intEnv("MAX_CONNS_PER_IP", 10)
	if err != nil {
		return nil, err
	}
	cfg.MaxConnsPerSub, err = intEnv("MAX_CONNS_PER_SUBJECT", 3)
	if err != nil {
		return nil, err
	}
	cfg.IdleSweepMinutes, err = intEnv("IDLE_SWEEP_MINUTES", 30)
	if err != nil {
		return nil, err
	}
	handshakeSecs, err := intEnv("HANDSHAKE_TIMEOUT_SECONDS", 10)
	if err != nil {
		return nil, err
	}
	cfg.HandshakeTimeout = time.Duration(handshakeSecs) * time.Second

	cfg.SnapshotTimeout, err = durationEnv("SNAPSHOT_TIMEOUT", 4*time.Second)
	if err != nil {
		return nil, err
	}
	cfg.PriceInterval, err = durationEnv("PRICE_INTERVAL", 5*time.Second)
	if err != nil {
		return nil, err
	}
	cfg.FXInterval, err = durationEnv("FX_INTERVAL", 5*time.Second)
	if err != nil {
		return nil, err
	}
	cfg.NewsInterval, err = durationEnv("NEWS_INTERVAL", 60*time.Second)
	if err != nil {
		return nil, err
	}
	cfg.SignalsInterval, err = durationEnv("SIGNALS_INTERVAL", 30*time.Second)
	if err != nil {
		return nil, err
	}
	cfg.StatusInterval, err = durationEnv("STATUS_INTERVAL", 60*time.Second)
	if err != nil {
		return nil, err
	}
	cfg.HeartbeatInterval, err = durationEnv("HEARTBEAT_INTERVAL", 30*time.Second)
	if err != nil {
		return nil, err
	}
	if v := os.Getenv("REDIS_DB"); v != "" {
		cfg.RedisDB, err = strconv.Atoi(v)
		if err != nil {
			return nil, fmt.Errorf("invalid REDIS_DB: %w", err)
		}
	}

	if cfg.JWTSecret == "" {
		return nil, fmt.Errorf("missing required environment variable JWT_SECRET")
	}
	return cfg, nil
}

func intEnv(key string, fallback int) (int, error) {
	v := os.Getenv(key)
	if v == "" {
		return fallback, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, fmt.Errorf("invalid %s: %w", key, err)
	}
	return n, nil
}

func durationEnv(key string, fallback time.Duration) (time.Duration, error) {
	v := os.Getenv(key)
	if v == "" {
		return fallback, nil
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return 0, fmt.Errorf("invalid %s: %w", key, err)
	}
	return d, nil
}

// RedisAddr returns host:port for the Redis snapshot store.
func (c *Config) RedisAddr() string {
	return c.RedisHost + ":" + c.RedisPort
}

package config

import (
	"fmt"
	"os"
	"strconv"
	"time"
)

// Config holds all application configuration
type Config struct {
	// Server configuration
	ServerPort      string
	ServerHost      string
	ShutdownTimeout time.Duration

	// Redis configuration (call record store)
	RedisURL         string
	RedisPoolSize    int
	RedisMinIdleConn int
	RedisMaxRetries  int
	RedisDialTimeout time.Duration
	CallRecordTTL    time.Duration

	// RTP media port pool
	PortRangeStart     int
	PortRangeEnd       int
	PortHealthInterval time.Duration
	MaxPortLeaseAge    time.Duration
	HighUtilizationPct float64
	MaxAcquireAttempts int

	// Call lifecycle
	MinBillableDuration time.Duration
	MaxCallRetries      int
	RetryDelay          time.Duration

	// Alert deduplication
	DebounceWindow   time.Duration
	MaxAlertsPerHour int
	AlertRetention   time.Duration
	CleanupInterval  time.Duration
	SimilarityCutoff float64

	// Telephony provider
	TwilioAccountSID string
	TwilioAuthToken  string
	TwilioFromNumber string
	TwilioAPIBaseURL string
	PublicBaseURL    string
	ProviderTimeout  time.Duration

	// AI realtime service
	AIRealtimeURL string

	// Debug audio export
	DebugAudioBucket string
	AWSRegion        string

	// Logging configuration
	LogLevel  string
	LogFormat string

	// Application metadata
	AppName    string
	AppVersion string
}

// Load loads configuration from environment variables
func Load() (*Config, error) {
	cfg := &Config{
		ServerPort:          getEnv("SERVER_PORT", "8080"),
		ServerHost:          getEnv("SERVER_HOST", "0.0.0.0"),
		ShutdownTimeout:     getEnvDuration("SHUTDOWN_TIMEOUT", 30*time.Second),
		RedisURL:            getEnv("REDIS_URL", "redis://localhost:6379/0"),
		RedisPoolSize:       getEnvInt("REDIS_POOL_SIZE", 10),
		RedisMinIdleConn:    getEnvInt("REDIS_MIN_IDLE_CONN", 2),
		RedisMaxRetries:     getEnvInt("REDIS_MAX_RETRIES", 3),
		RedisDialTimeout:    getEnvDuration("REDIS_DIAL_TIMEOUT", 5*time.Second),
		CallRecordTTL:       getEnvDuration("CALL_RECORD_TTL", 48*time.Hour),
		PortRangeStart:      getEnvInt("PORT_RANGE_START", 20001),
		PortRangeEnd:        getEnvInt("PORT_RANGE_END", 30000),
		PortHealthInterval:  getEnvDuration("PORT_HEALTH_INTERVAL", 60*time.Second),
		MaxPortLeaseAge:     getEnvDuration("MAX_PORT_LEASE_AGE", time.Hour),
		HighUtilizationPct:  getEnvFloat("HIGH_UTILIZATION_PCT", 90.0),
		MaxAcquireAttempts:  getEnvInt("MAX_ACQUIRE_ATTEMPTS", 10),
		MinBillableDuration: getEnvDuration("MIN_BILLABLE_DURATION", 30*time.Second),
		MaxCallRetries:      getEnvInt("MAX_CALL_RETRIES", 2),
		RetryDelay:          getEnvDuration("RETRY_DELAY", 2*time.Minute),
		DebounceWindow:      getEnvDuration("ALERT_DEBOUNCE_WINDOW", 5*time.Minute),
		MaxAlertsPerHour:    getEnvInt("MAX_ALERTS_PER_HOUR", 10),
		AlertRetention:      getEnvDuration("ALERT_RETENTION", 24*time.Hour),
		CleanupInterval:     getEnvDuration("ALERT_CLEANUP_INTERVAL", 30*time.Minute),
		SimilarityCutoff:    getEnvFloat("ALERT_SIMILARITY_CUTOFF", 0.7),
		TwilioAccountSID:    getEnv("TWILIO_ACCOUNT_SID", ""),
		TwilioAuthToken:     getEnv("TWILIO_AUTH_TOKEN", ""),
		TwilioFromNumber:    getEnv("TWILIO_FROM_NUMBER", ""),
		TwilioAPIBaseURL:    getEnv("TWILIO_API_BASE_URL", "https://api.twilio.com"),
		PublicBaseURL:       getEnv("PUBLIC_BASE_URL", "http://localhost:8080"),
		ProviderTimeout:     getEnvDuration("PROVIDER_TIMEOUT", 10*time.Second),
		AIRealtimeURL:       getEnv("AI_REALTIME_URL", "ws://localhost:9090/realtime"),
		DebugAudioBucket:    getEnv("DEBUG_AUDIO_BUCKET", ""),
		AWSRegion:           getEnv("AWS_REGION", "us-east-1"),
		LogLevel:            getEnv("LOG_LEVEL", "info"),
		LogFormat:           getEnv("LOG_FORMAT", "json"),
		AppName:             "wellness-orchestrator",
		AppVersion:          getEnv("APP_VERSION", "dev"),
	}

	// Validate required configuration
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return cfg, nil
}

// Validate checks if required configuration is present
func (c *Config) Validate() error {
	if c.PortRangeStart <= 0 || c.PortRangeEnd <= c.PortRangeStart {
		return fmt.Errorf("invalid port range: %d-%d", c.PortRangeStart, c.PortRangeEnd)
	}
	if c.PortRangeEnd > 65535 {
		return fmt.Errorf("port range end %d exceeds 65535", c.PortRangeEnd)
	}
	if c.MaxAlertsPerHour <= 0 {
		return fmt.Errorf("MAX_ALERTS_PER_HOUR must be positive, got %d", c.MaxAlertsPerHour)
	}
	if c.SimilarityCutoff <= 0 || c.SimilarityCutoff > 1 {
		return fmt.Errorf("ALERT_SIMILARITY_CUTOFF must be in (0,1], got %v", c.SimilarityCutoff)
	}
	if c.TwilioAccountSID != "" && c.TwilioAuthToken == "" {
		return fmt.Errorf("TWILIO_AUTH_TOKEN is required when TWILIO_ACCOUNT_SID is set")
	}

	// Validate log level
	validLogLevels := map[string]bool{
		"debug": true,
		"info":  true,
		"warn":  true,
		"error": true,
	}
	if !validLogLevels[c.LogLevel] {
		return fmt.Errorf("invalid log level: %s (must be debug/info/warn/error)", c.LogLevel)
	}

	return nil
}

// GetServerAddress returns the full server address
func (c *Config) GetServerAddress() string {
	return c.ServerHost + ":" + c.ServerPort
}

// getEnv retrieves an environment variable or returns a default value
func getEnv(key, defaultVal string) string {
	if val := os.Getenv(key); val != "" {
		return val
	}
	return defaultVal
}

// getEnvInt retrieves an integer environment variable or returns a default value
func getEnvInt(key string, defaultVal int) int {
	if val := os.Getenv(key); val != "" {
		i, err := strconv.Atoi(val)
		if err != nil {
			return defaultVal
		}
		return i
	}
	return defaultVal
}

// getEnvFloat retrieves a float environment variable or returns a default value
func getEnvFloat(key string, defaultVal float64) float64 {
	if val := os.Getenv(key); val != "" {
		f, err := strconv.ParseFloat(val, 64)
		if err != nil {
			return defaultVal
		}
		return f
	}
	return defaultVal
}

// getEnvDuration retrieves a duration environment variable or returns a default value
func getEnvDuration(key string, defaultVal time.Duration) time.Duration {
	if val := os.Getenv(key); val != "" {
		d, err := time.ParseDuration(val)
		if err != nil {
			return defaultVal
		}
		return d
	}
	return defaultVal
}

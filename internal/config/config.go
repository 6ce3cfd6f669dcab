package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// Config holds all application configuration
type Config struct {
	Server        ServerConfig
	Database      DatabaseConfig
	Supervisor    SupervisorConfig
	Proxy         ProxyConfig
	RateLimit     RateLimitConfig
	Lifecycle     LifecycleConfig
	Auth          AuthConfig
	Observability ObservabilityConfig
}

// ServerConfig holds HTTP server configuration
type ServerConfig struct {
	Host         string
	Port         string
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
	IdleTimeout  time.Duration
	// BaseDomain is stripped from the request host to obtain the
	// tenant routing key, e.g. "hostbridge.app" for t1.hostbridge.app.
	BaseDomain string
}

// DatabaseConfig holds metadata store configuration
type DatabaseConfig struct {
	Host            string
	Port            string
	User            string
	Password        string
	Database        string
	SSLMode         string
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
}

// SupervisorConfig holds per-host process supervision configuration
type SupervisorConfig struct {
	// ListenAddr is where supervisord serves the management protocol.
	ListenAddr string
	// RemoteURL, when set, makes the gateway talk to a remote
	// supervisord instead of supervising processes in-process.
	RemoteURL string
	Secret    string
	// EngineCommand is the engine invocation, space separated;
	// {tenant}, {port} and {dir} are substituted per spawn.
	EngineCommand []string
	DataRoot      string
	StopGrace     time.Duration
	CallTimeout   time.Duration
}

// ProxyConfig holds the gateway forward/retry policy
type ProxyConfig struct {
	MaxAttempts    int
	RetryDelayUnit time.Duration
	CallTimeout    time.Duration
}

// RateLimitConfig holds rate limiting configuration
type RateLimitConfig struct {
	KeyLimit      int
	KeyWindow     time.Duration
	SweepInterval time.Duration
	// Management API coarse per-IP limiter.
	ManagementRPS   float64
	ManagementBurst int
}

// LifecycleConfig holds orchestration configuration
type LifecycleConfig struct {
	PortMin             int
	PortMax             int
	IdleThreshold       time.Duration
	IdleSweepInterval   time.Duration
	ActivityDebounce    time.Duration
	RotationGracePeriod time.Duration
}

// AuthConfig holds credential hashing and management-auth configuration
type AuthConfig struct {
	// JWTSecret verifies bearer tokens issued by the external identity
	// provider for the management API.
	JWTSecret         string
	Argon2Memory      uint32
	Argon2Iterations  uint32
	Argon2Parallelism uint8
	Argon2SaltLength  uint32
	Argon2KeyLength   uint32
}

// ObservabilityConfig holds logging and tracing configuration
type ObservabilityConfig struct {
	LogLevel       string
	LogFormat      string
	OTELEnabled    bool
	ServiceName    string
	ServiceVersion string
	SamplingRate   float64
}

// Load loads configuration from environment variables
func Load() (*Config, error) {
	cfg := &Config{
		Server: ServerConfig{
			Host:         getEnv("SERVER_HOST", "0.0.0.0"),
			Port:         getEnv("SERVER_PORT", "8080"),
			ReadTimeout:  parseDuration("SERVER_READ_TIMEOUT", "15s"),
			WriteTimeout: parseDuration("SERVER_WRITE_TIMEOUT", "30s"),
			IdleTimeout:  parseDuration("SERVER_IDLE_TIMEOUT", "60s"),
			BaseDomain:   getEnv("SERVER_BASE_DOMAIN", "hostbridge.local"),
		},
		Database: DatabaseConfig{
			Host:            getEnv("DB_HOST", "localhost"),
			Port:            getEnv("DB_PORT", "5432"),
			User:            getEnv("DB_USER", "hostbridge"),
			Password:        getEnv("DB_PASSWORD", ""),
			Database:        getEnv("DB_NAME", "hostbridge"),
			SSLMode:         getEnv("DB_SSLMODE", "disable"),
			MaxOpenConns:    parseInt("DB_MAX_OPEN_CONNS", 25),
			MaxIdleConns:    parseInt("DB_MAX_IDLE_CONNS", 5),
			ConnMaxLifetime: parseDuration("DB_CONN_MAX_LIFETIME", "5m"),
		},
		Supervisor: SupervisorConfig{
			ListenAddr:    getEnv("SUPERVISOR_LISTEN_ADDR", "127.0.0.1:8090"),
			RemoteURL:     getEnv("SUPERVISOR_REMOTE_URL", ""),
			Secret:        getEnv("SUPERVISOR_SECRET", ""),
			EngineCommand: strings.Fields(getEnv("SUPERVISOR_ENGINE_COMMAND", "hbengine serve --dir {dir} --http 127.0.0.1:{port}")),
			DataRoot:      getEnv("SUPERVISOR_DATA_ROOT", "/var/lib/hostbridge/tenants"),
			StopGrace:     parseDuration("SUPERVISOR_STOP_GRACE", "10s"),
			CallTimeout:   parseDuration("SUPERVISOR_CALL_TIMEOUT", "15s"),
		},
		Proxy: ProxyConfig{
			MaxAttempts:    parseInt("PROXY_MAX_ATTEMPTS", 5),
			RetryDelayUnit: parseDuration("PROXY_RETRY_DELAY_UNIT", "500ms"),
			CallTimeout:    parseDuration("PROXY_CALL_TIMEOUT", "10s"),
		},
		RateLimit: RateLimitConfig{
			KeyLimit:        parseInt("RATELIMIT_KEY_LIMIT", 100),
			KeyWindow:       parseDuration("RATELIMIT_KEY_WINDOW", "1m"),
			SweepInterval:   parseDuration("RATELIMIT_SWEEP_INTERVAL", "5m"),
			ManagementRPS:   float64(parseInt("RATELIMIT_MGMT_RPS", 10)),
			ManagementBurst: parseInt("RATELIMIT_MGMT_BURST", 20),
		},
		Lifecycle: LifecycleConfig{
			PortMin:             parseInt("LIFECYCLE_PORT_MIN", 8100),
			PortMax:             parseInt("LIFECYCLE_PORT_MAX", 8999),
			IdleThreshold:       parseDuration("LIFECYCLE_IDLE_THRESHOLD", "30m"),
			IdleSweepInterval:   parseDuration("LIFECYCLE_IDLE_SWEEP_INTERVAL", "5m"),
			ActivityDebounce:    parseDuration("LIFECYCLE_ACTIVITY_DEBOUNCE", "30s"),
			RotationGracePeriod: parseDuration("LIFECYCLE_KEY_ROTATION_GRACE", "24h"),
		},
		Auth: AuthConfig{
			JWTSecret:         getEnv("AUTH_JWT_SECRET", ""),
			Argon2Memory:      uint32(parseInt("ARGON2_MEMORY", 16384)),
			Argon2Iterations:  uint32(parseInt("ARGON2_ITERATIONS", 2)),
			Argon2Parallelism: uint8(parseInt("ARGON2_PARALLELISM", 1)),
			Argon2SaltLength:  uint32(parseInt("ARGON2_SALT_LENGTH", 16)),
			Argon2KeyLength:   uint32(parseInt("ARGON2_KEY_LENGTH", 32)),
		},
		Observability: ObservabilityConfig{
			LogLevel:       getEnv("LOG_LEVEL", "info"),
			LogFormat:      getEnv("LOG_FORMAT", "json"),
			OTELEnabled:    parseBool("OTEL_ENABLED", false),
			ServiceName:    getEnv("OTEL_SERVICE_NAME", "hostbridge"),
			ServiceVersion: getEnv("OTEL_SERVICE_VERSION", "0.1.0"),
			SamplingRate:   parseFloat("OTEL_SAMPLING_RATE", 1.0),
		},
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return cfg, nil
}

// Validate validates the configuration
func (c *Config) Validate() error {
	if c.Database.Password == "" {
		return fmt.Errorf("DB_PASSWORD is required")
	}
	if c.Supervisor.Secret == "" {
		return fmt.Errorf("SUPERVISOR_SECRET is required")
	}
	if c.Lifecycle.PortMin <= 0 || c.Lifecycle.PortMax < c.Lifecycle.PortMin {
		return fmt.Errorf("invalid lifecycle port range %d-%d", c.Lifecycle.PortMin, c.Lifecycle.PortMax)
	}
	if c.Proxy.MaxAttempts < 1 {
		return fmt.Errorf("PROXY_MAX_ATTEMPTS must be at least 1")
	}
	return nil
}

// Helper functions
func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func parseInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if i, err := strconv.Atoi(value); err == nil {
			return i
		}
	}
	return defaultValue
}

func parseFloat(key string, defaultValue float64) float64 {
	if value := os.Getenv(key); value != "" {
		if f, err := strconv.ParseFloat(value, 64); err == nil {
			return f
		}
	}
	return defaultValue
}

func parseBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		if b, err := strconv.ParseBool(value); err == nil {
			return b
		}
	}
	return defaultValue
}

func parseDuration(key string, defaultValue string) time.Duration {
	value := getEnv(key, defaultValue)
	d, err := time.ParseDuration(value)
	if err != nil {
		// Fallback to default
		d, _ = time.ParseDuration(defaultValue)
	}
	return d
}

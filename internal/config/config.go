package config

import (
	"encoding/base64"
	"encoding/hex"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Storage backends
const (
	BackendPostgres = "postgres"
	BackendMemory   = "memory"
	BackendRedis    = "redis"
)

type Config struct {
	Database DatabaseConfig
	Server   ServerConfig
	Auth     AuthConfig
	MFA      MFAConfig
	Store    StoreConfig
	Redis    RedisConfig
	Email    EmailConfig
}

type DatabaseConfig struct {
	Host              string
	Port              int
	User              string
	Password          string
	Name              string
	SSLMode           string
	MaxConns          int32
	MinConns          int32
	MaxConnLifetime   time.Duration
	MaxConnIdleTime   time.Duration
	HealthCheckPeriod time.Duration
	AutoMigrate       bool
}

type ServerConfig struct {
	Port           string
	Env            string
	LogLevel       string
	TrustedProxies []string
	ReadTimeout    time.Duration
	WriteTimeout   time.Duration
	IdleTimeout    time.Duration
}

// AuthConfig configures validation of primary-session bearer tokens
type AuthConfig struct {
	JWTSecret string
	JWTIssuer string
}

type MFAConfig struct {
	Issuer               string
	EncryptionKey        []byte
	SecretSize           int
	BackupCodeCount      int
	ToleranceSteps       int
	SessionTTL           time.Duration
	EnrollmentTTL        time.Duration
	StorageTimeout       time.Duration
	MaxFailedAttempts    int
	LockoutWindow        time.Duration
	RequireReenrollFlag  bool
	TimingDelayBaseMs    int
	TimingDelayRandomMs  int
	StepUpActionMaxAge   map[string]time.Duration
	CleanupInterval      time.Duration
	SessionRetention     time.Duration
	VerifyRequestsPerMin int
}

// StoreConfig selects persistence backends
type StoreConfig struct {
	Backend        string // postgres | memory
	LimiterBackend string // memory | redis | postgres
}

type RedisConfig struct {
	Addr      string
	Password  string
	DB        int
	KeyPrefix string
}

type EmailConfig struct {
	Enabled     bool
	AWSRegion   string
	FromAddress string
}

func Load() (*Config, error) {
	_ = godotenv.Load()

	jwtSecret := getEnv("JWT_SECRET", "")
	if jwtSecret == "" {
		return nil, fmt.Errorf("JWT_SECRET is required")
	}

	env := getEnv("ENV", "development")

	encryptionKey, err := parseKey(getEnv("MFA_ENCRYPTION_KEY", ""))
	if err != nil {
		return nil, err
	}

	actionMaxAge, err := parseActionMaxAge(getEnv("STEPUP_ACTION_MAX_AGE", ""))
	if err != nil {
		return nil, err
	}

	cfg := &Config{
		Database: DatabaseConfig{
			Host:              getEnv("DB_HOST", "localhost"),
			Port:              getEnvAsInt("DB_PORT", 5432),
			User:              getEnv("DB_USER", "postgres"),
			Password:          getEnv("DB_PASSWORD", ""),
			Name:              getEnv("DB_NAME", "kamino_stepup"),
			SSLMode:           getEnv("DB_SSLMODE", "disable"),
			MaxConns:          int32(getEnvAsInt("DB_MAX_CONNS", 25)),
			MinConns:          int32(getEnvAsInt("DB_MIN_CONNS", 5)),
			MaxConnLifetime:   getEnvAsDuration("DB_MAX_CONN_LIFETIME", 5*time.Minute),
			MaxConnIdleTime:   getEnvAsDuration("DB_MAX_CONN_IDLE_TIME", 1*time.Minute),
			HealthCheckPeriod: getEnvAsDuration("DB_HEALTH_CHECK_PERIOD", 1*time.Minute),
			AutoMigrate:       getEnvAsBool("DB_AUTO_MIGRATE", true),
		},
		Server: ServerConfig{
			Port:           getEnv("PORT", "8080"),
			Env:            env,
			LogLevel:       getEnv("LOG_LEVEL", "info"),
			TrustedProxies: splitList(getEnv("TRUSTED_PROXIES", "")),
			ReadTimeout:    getEnvAsDuration("SERVER_READ_TIMEOUT", 15*time.Second),
			WriteTimeout:   getEnvAsDuration("SERVER_WRITE_TIMEOUT", 15*time.Second),
			IdleTimeout:    getEnvAsDuration("SERVER_IDLE_TIMEOUT", 60*time.Second),
		},
		Auth: AuthConfig{
			JWTSecret: jwtSecret,
			JWTIssuer: getEnv("JWT_ISSUER", ""),
		},
		MFA: MFAConfig{
			Issuer:               getEnv("MFA_ISSUER", "Kamino"),
			EncryptionKey:        encryptionKey,
			SecretSize:           getEnvAsInt("MFA_SECRET_SIZE", 20),
			BackupCodeCount:      getEnvAsInt("MFA_BACKUP_CODE_COUNT", 10),
			ToleranceSteps:       getEnvAsInt("MFA_TOLERANCE_STEPS", 1),
			SessionTTL:           getEnvAsDuration("MFA_SESSION_TTL", 24*time.Hour),
			EnrollmentTTL:        getEnvAsDuration("MFA_ENROLLMENT_TTL", 15*time.Minute),
			StorageTimeout:       getEnvAsDuration("MFA_STORAGE_TIMEOUT", 2*time.Second),
			MaxFailedAttempts:    getEnvAsInt("MFA_MAX_FAILED_ATTEMPTS", 5),
			LockoutWindow:        getEnvAsDuration("MFA_LOCKOUT_WINDOW", 15*time.Minute),
			RequireReenrollFlag:  getEnvAsBool("MFA_REQUIRE_REENROLL_INTENT", false),
			TimingDelayBaseMs:    getEnvAsInt("MFA_TIMING_DELAY_BASE_MS", 200),
			TimingDelayRandomMs:  getEnvAsInt("MFA_TIMING_DELAY_RANDOM_MS", 100),
			StepUpActionMaxAge:   actionMaxAge,
			CleanupInterval:      getEnvAsDuration("MFA_CLEANUP_INTERVAL", 1*time.Hour),
			SessionRetention:     getEnvAsDuration("MFA_SESSION_RETENTION", 7*24*time.Hour),
			VerifyRequestsPerMin: getEnvAsInt("MFA_VERIFY_REQUESTS_PER_MINUTE", 20),
		},
		Store: StoreConfig{
			Backend:        getEnv("STORE_BACKEND", BackendPostgres),
			LimiterBackend: getEnv("LIMITER_BACKEND", BackendMemory),
		},
		Redis: RedisConfig{
			Addr:      getEnv("REDIS_ADDR", "localhost:6379"),
			Password:  getEnv("REDIS_PASSWORD", ""),
			DB:        getEnvAsInt("REDIS_DB", 0),
			KeyPrefix: getEnv("REDIS_KEY_PREFIX", "stepup"),
		},
		Email: EmailConfig{
			Enabled:     getEnvAsBool("EMAIL_ENABLED", false),
			AWSRegion:   getEnv("AWS_REGION", "us-east-1"),
			FromAddress: getEnv("EMAIL_FROM_ADDRESS", ""),
		},
	}

	if err := cfg.validate(); err != nil {
		return nil, err
	}

	if err := validateJWTSecret(jwtSecret, env); err != nil {
		return nil, err
	}

	return cfg, nil
}

func (c *Config) validate() error {
	switch c.Store.Backend {
	case BackendPostgres, BackendMemory:
	default:
		return fmt.Errorf("STORE_BACKEND must be %q or %q", BackendPostgres, BackendMemory)
	}

	switch c.Store.LimiterBackend {
	case BackendMemory, BackendRedis:
	case BackendPostgres:
		if c.Store.Backend != BackendPostgres {
			return fmt.Errorf("LIMITER_BACKEND=postgres requires STORE_BACKEND=postgres")
		}
	default:
		return fmt.Errorf("LIMITER_BACKEND must be one of memory, redis, postgres")
	}

	if c.Store.Backend == BackendPostgres && c.Database.Password == "" {
		return fmt.Errorf("DB_PASSWORD is required")
	}

	if c.Server.Env == "production" && c.Store.Backend == BackendMemory {
		return fmt.Errorf("STORE_BACKEND=memory is not allowed in production")
	}

	if c.MFA.MaxFailedAttempts < 1 {
		return fmt.Errorf("MFA_MAX_FAILED_ATTEMPTS must be at least 1")
	}

	if c.MFA.ToleranceSteps < 0 || c.MFA.ToleranceSteps > 2 {
		return fmt.Errorf("MFA_TOLERANCE_STEPS must be between 0 and 2")
	}

	if c.MFA.SessionTTL <= 0 {
		return fmt.Errorf("MFA_SESSION_TTL must be positive")
	}

	if c.Email.Enabled && c.Email.FromAddress == "" {
		return fmt.Errorf("EMAIL_FROM_ADDRESS is required when EMAIL_ENABLED=true")
	}

	return nil
}

// validateJWTSecret enforces minimum security standards for JWT secret
func validateJWTSecret(secret, env string) error {
	minLength := 16 // Development minimum
	if env == "production" {
		minLength = 32 // Production requires stronger secret (256 bits)
	}

	if len(secret) < minLength {
		return fmt.Errorf("JWT_SECRET must be at least %d characters in %s environment (got %d)",
			minLength, env, len(secret))
	}

	weakSecrets := []string{
		"secret", "test", "password", "12345", "changeme",
		"admin", "root", "default", "example",
	}

	secretLower := strings.ToLower(secret)
	for _, weak := range weakSecrets {
		if secretLower == weak {
			return fmt.Errorf("JWT_SECRET cannot be a common weak value")
		}
	}

	return nil
}

// parseKey accepts a 32-byte AES key as hex or standard base64
func parseKey(raw string) ([]byte, error) {
	if raw == "" {
		return nil, fmt.Errorf("MFA_ENCRYPTION_KEY is required")
	}

	if key, err := hex.DecodeString(raw); err == nil && len(key) == 32 {
		return key, nil
	}
	if key, err := base64.StdEncoding.DecodeString(raw); err == nil && len(key) == 32 {
		return key, nil
	}

	return nil, fmt.Errorf("MFA_ENCRYPTION_KEY must be 32 bytes encoded as hex or base64")
}

// parseActionMaxAge parses "approval=15m,mfa_reset=5m"
func parseActionMaxAge(raw string) (map[string]time.Duration, error) {
	out := make(map[string]time.Duration)
	for _, item := range splitList(raw) {
		name, value, ok := strings.Cut(item, "=")
		if !ok || strings.TrimSpace(name) == "" {
			return nil, fmt.Errorf("STEPUP_ACTION_MAX_AGE: malformed entry %q", item)
		}
		d, err := time.ParseDuration(strings.TrimSpace(value))
		if err != nil || d <= 0 {
			return nil, fmt.Errorf("STEPUP_ACTION_MAX_AGE: invalid duration for %q", name)
		}
		out[strings.TrimSpace(name)] = d
	}
	return out, nil
}

func (c *DatabaseConfig) DSN() string {
	return fmt.Sprintf(
		"host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		c.Host, c.Port, c.User, c.Password, c.Name, c.SSLMode,
	)
}

func getEnv(key, defaultVal string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultVal
}

func getEnvAsInt(key string, defaultVal int) int {
	if value := os.Getenv(key); value != "" {
		if intVal, err := strconv.Atoi(value); err == nil {
			return intVal
		}
	}
	return defaultVal
}

func getEnvAsBool(key string, defaultVal bool) bool {
	if value := os.Getenv(key); value != "" {
		if b, err := strconv.ParseBool(value); err == nil {
			return b
		}
	}
	return defaultVal
}

func getEnvAsDuration(key string, defaultVal time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if duration, err := time.ParseDuration(value); err == nil {
			return duration
		}
	}
	return defaultVal
}

func splitList(raw string) []string {
	if raw == "" {
		return nil
	}
	parts := strings.Split(raw, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}

package config

import (
	"fmt"
	"net/http"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// TLSConfig carries certificate material; its presence forces https.
type TLSConfig struct {
	CertificatePath string
	PrivateKeyPath  string
}

// CORSConfig configures the CORS layer.
type CORSConfig struct {
	AllowedOrigins []string
	AllowedMethods []string
	AllowedHeaders []string
	ExposedHeaders []string
}

// AllowAllCORS grants any origin the standard methods and exposes
// X-Total-Count.
func AllowAllCORS() *CORSConfig {
	return &CORSConfig{
		AllowedOrigins: []string{"*"},
		AllowedMethods: []string{http.MethodGet, http.MethodPost, http.MethodPut, http.MethodDelete, http.MethodOptions},
		AllowedHeaders: []string{"Accept", "Accept-Charset", "Authorization", "Content-Type", "If-None-Match", "Range", "X-API-Key"},
		ExposedHeaders: []string{"X-Total-Count", "ETag", "Content-Range", "Location"},
	}
}

// RateLimitKey selects the client identity used for rate limiting.
type RateLimitKey string

const (
	LimitByClientIP RateLimitKey = "clientIP"
	LimitByAPIKey   RateLimitKey = "apiKey"
)

// RateLimitConfig caps requests per client per window.
type RateLimitConfig struct {
	MaxRequests   int
	WindowSeconds int
	LimitBy       RateLimitKey
}

// DuplicatePolicy decides what STOW does with an already-stored instance.
type DuplicatePolicy string

const (
	DuplicateReject  DuplicatePolicy = "reject"
	DuplicateReplace DuplicatePolicy = "replace"
	DuplicateAccept  DuplicatePolicy = "accept"
)

// STOWConfig controls STOW-RS validation and duplicate handling.
type STOWConfig struct {
	DuplicatePolicy            DuplicatePolicy
	ValidateRequiredAttributes bool
	ValidateSOPClasses         bool
	AllowedSOPClasses          []string
	ValidateUIDFormat          bool
	AdditionalRequiredTags     []string
}

// DefaultSTOW replaces duplicates and validates required attributes and UID
// format without restricting SOP classes.
func DefaultSTOW() STOWConfig {
	return STOWConfig{
		DuplicatePolicy:            DuplicateReplace,
		ValidateRequiredAttributes: true,
		ValidateUIDFormat:          true,
	}
}

// StrictSTOW rejects duplicates and enables every validation.
func StrictSTOW() STOWConfig {
	return STOWConfig{
		DuplicatePolicy:            DuplicateReject,
		ValidateRequiredAttributes: true,
		ValidateSOPClasses:         true,
		ValidateUIDFormat:          true,
	}
}

// PermissiveSTOW accepts duplicates and skips validation.
func PermissiveSTOW() STOWConfig {
	return STOWConfig{DuplicatePolicy: DuplicateAccept}
}

// CacheConfig controls the response cache.
type CacheConfig struct {
	Enabled    bool
	DefaultTTL time.Duration
	MaxEntries int
	MaxBytes   int64
	Backend    string // "memory" or "redis"
}

// DefaultCache enables the in-memory backend.
func DefaultCache() CacheConfig {
	return CacheConfig{
		Enabled:    true,
		DefaultTTL: 5 * time.Minute,
		MaxEntries: 1000,
		MaxBytes:   256 << 20,
		Backend:    "memory",
	}
}

// DisabledCache turns the response cache off.
func DisabledCache() CacheConfig {
	return CacheConfig{Enabled: false}
}

// ServerConfig is the HTTP front configuration.
type ServerConfig struct {
	Host                  string
	Port                  int
	PathPrefix            string
	ServerName            string
	MaxRequestBodySize    int64
	MaxConcurrentRequests int
	RequestTimeout        time.Duration
	TLS                   *TLSConfig
	CORS                  *CORSConfig
	RateLimit             *RateLimitConfig
}

// BaseURL derives scheme://host:port<prefix>, substituting localhost for the
// wildcard bind address. Scheme is https iff TLS is configured.
func (c ServerConfig) BaseURL() string {
	scheme := "http"
	if c.TLS != nil {
		scheme = "https"
	}
	host := c.Host
	if host == "0.0.0.0" || host == "" {
		host = "localhost"
	}
	return fmt.Sprintf("%s://%s:%d%s", scheme, host, c.Port, c.PathPrefix)
}

// RedisConfig locates the optional Redis cache backend.
type RedisConfig struct {
	Host     string
	Port     int
	Password string
	DB       int
}

// DatabaseConfig locates the optional postgres storage backend.
type DatabaseConfig struct {
	Host     string
	Port     int
	User     string
	Password string
	DBName   string
	SSLMode  string
	LogLevel string
}

// EventsConfig controls the UPS event system.
type EventsConfig struct {
	MaxQueueSize int
}

// LogConfig controls zerolog initialization.
type LogConfig struct {
	Level  string
	Format string
}

// Config is the full server configuration.
type Config struct {
	Server         ServerConfig
	STOW           STOWConfig
	Cache          CacheConfig
	Events         EventsConfig
	Redis          RedisConfig
	Database       DatabaseConfig
	Log            LogConfig
	StorageBackend string // "memory" or "postgres"
	MetricsEnabled bool
}

// Default returns the configuration with every built-in default applied.
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			Host:                  "0.0.0.0",
			Port:                  8042,
			PathPrefix:            "/dicom-web",
			ServerName:            "DICOMKit/1.0",
			MaxRequestBodySize:    500 << 20,
			MaxConcurrentRequests: 100,
			RequestTimeout:        30 * time.Second,
		},
		STOW:           DefaultSTOW(),
		Cache:          DefaultCache(),
		Events:         EventsConfig{MaxQueueSize: 1000},
		Redis:          RedisConfig{Host: "localhost", Port: 6379},
		Database:       DatabaseConfig{Host: "localhost", Port: 5432, User: "dicom", DBName: "dicomweb", SSLMode: "disable", LogLevel: "warn"},
		Log:            LogConfig{Level: "info", Format: "json"},
		StorageBackend: "memory",
		MetricsEnabled: true,
	}
}

// Load reads .env (when present) and the environment on top of defaults.
func Load() (*Config, error) {
	_ = godotenv.Load()

	cfg := Default()
	cfg.Server.Host = getEnv("SERVER_HOST", cfg.Server.Host)
	cfg.Server.Port = getEnvInt("SERVER_PORT", cfg.Server.Port)
	cfg.Server.PathPrefix = getEnv("SERVER_PATH_PREFIX", cfg.Server.PathPrefix)
	cfg.Server.ServerName = getEnv("SERVER_NAME", cfg.Server.ServerName)
	cfg.Server.MaxRequestBodySize = getEnvInt64("SERVER_MAX_BODY_BYTES", cfg.Server.MaxRequestBodySize)
	cfg.Server.MaxConcurrentRequests = getEnvInt("SERVER_MAX_CONCURRENT", cfg.Server.MaxConcurrentRequests)
	cfg.Server.RequestTimeout = getEnvDuration("SERVER_REQUEST_TIMEOUT", cfg.Server.RequestTimeout)

	if cert := os.Getenv("TLS_CERT_PATH"); cert != "" {
		cfg.Server.TLS = &TLSConfig{
			CertificatePath: cert,
			PrivateKeyPath:  os.Getenv("TLS_KEY_PATH"),
		}
	}

	switch getEnv("CORS_MODE", "") {
	case "allow_all":
		cfg.Server.CORS = AllowAllCORS()
	case "custom":
		cfg.Server.CORS = &CORSConfig{
			AllowedOrigins: getEnvList("CORS_ALLOWED_ORIGINS"),
			AllowedMethods: getEnvList("CORS_ALLOWED_METHODS"),
			AllowedHeaders: getEnvList("CORS_ALLOWED_HEADERS"),
			ExposedHeaders: getEnvList("CORS_EXPOSED_HEADERS"),
		}
	}

	if max := getEnvInt("RATE_LIMIT_MAX_REQUESTS", 0); max > 0 {
		cfg.Server.RateLimit = &RateLimitConfig{
			MaxRequests:   max,
			WindowSeconds: getEnvInt("RATE_LIMIT_WINDOW_SECONDS", 60),
			LimitBy:       RateLimitKey(getEnv("RATE_LIMIT_BY", string(LimitByClientIP))),
		}
	}

	switch getEnv("STOW_PRESET", "default") {
	case "strict":
		cfg.STOW = StrictSTOW()
	case "permissive":
		cfg.STOW = PermissiveSTOW()
	default:
		cfg.STOW = DefaultSTOW()
	}
	if classes := getEnvList("STOW_ALLOWED_SOP_CLASSES"); len(classes) > 0 {
		cfg.STOW.AllowedSOPClasses = classes
	}
	if tags := getEnvList("STOW_REQUIRED_TAGS"); len(tags) > 0 {
		cfg.STOW.AdditionalRequiredTags = tags
	}

	cfg.Cache.Enabled = getEnvBool("CACHE_ENABLED", cfg.Cache.Enabled)
	cfg.Cache.DefaultTTL = getEnvDuration("CACHE_TTL", cfg.Cache.DefaultTTL)
	cfg.Cache.MaxEntries = getEnvInt("CACHE_MAX_ENTRIES", cfg.Cache.MaxEntries)
	cfg.Cache.MaxBytes = getEnvInt64("CACHE_MAX_BYTES", cfg.Cache.MaxBytes)
	cfg.Cache.Backend = getEnv("CACHE_BACKEND", cfg.Cache.Backend)

	cfg.Events.MaxQueueSize = getEnvInt("EVENT_QUEUE_SIZE", cfg.Events.MaxQueueSize)

	cfg.Redis.Host = getEnv("REDIS_HOST", cfg.Redis.Host)
	cfg.Redis.Port = getEnvInt("REDIS_PORT", cfg.Redis.Port)
	cfg.Redis.Password = getEnv("REDIS_PASSWORD", cfg.Redis.Password)
	cfg.Redis.DB = getEnvInt("REDIS_DB", cfg.Redis.DB)

	cfg.Database.Host = getEnv("DB_HOST", cfg.Database.Host)
	cfg.Database.Port = getEnvInt("DB_PORT", cfg.Database.Port)
	cfg.Database.User = getEnv("DB_USER", cfg.Database.User)
	cfg.Database.Password = getEnv("DB_PASSWORD", cfg.Database.Password)
	cfg.Database.DBName = getEnv("DB_NAME", cfg.Database.DBName)
	cfg.Database.SSLMode = getEnv("DB_SSLMODE", cfg.Database.SSLMode)
	cfg.Database.LogLevel = getEnv("DB_LOG_LEVEL", cfg.Database.LogLevel)

	cfg.Log.Level = getEnv("LOG_LEVEL", cfg.Log.Level)
	cfg.Log.Format = getEnv("LOG_FORMAT", cfg.Log.Format)
	cfg.StorageBackend = getEnv("STORAGE_BACKEND", cfg.StorageBackend)
	cfg.MetricsEnabled = getEnvBool("METRICS_ENABLED", cfg.MetricsEnabled)

	return cfg, nil
}

// Validate rejects configurations the server cannot run with.
func (c *Config) Validate() error {
	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		return fmt.Errorf("invalid port %d", c.Server.Port)
	}
	if !strings.HasPrefix(c.Server.PathPrefix, "/") {
		return fmt.Errorf("path prefix must start with /: %q", c.Server.PathPrefix)
	}
	if c.Server.MaxRequestBodySize <= 0 {
		return fmt.Errorf("max request body size must be positive")
	}
	if c.Server.MaxConcurrentRequests <= 0 {
		return fmt.Errorf("max concurrent requests must be positive")
	}
	if c.Server.TLS != nil && (c.Server.TLS.CertificatePath == "" || c.Server.TLS.PrivateKeyPath == "") {
		return fmt.Errorf("TLS requires both certificate and key paths")
	}
	switch c.STOW.DuplicatePolicy {
	case DuplicateReject, DuplicateReplace, DuplicateAccept:
	default:
		return fmt.Errorf("unknown duplicate policy %q", c.STOW.DuplicatePolicy)
	}
	if rl := c.Server.RateLimit; rl != nil {
		if rl.MaxRequests <= 0 || rl.WindowSeconds <= 0 {
			return fmt.Errorf("rate limit requires positive max requests and window")
		}
		if rl.LimitBy != LimitByClientIP && rl.LimitBy != LimitByAPIKey {
			return fmt.Errorf("unknown rate limit key %q", rl.LimitBy)
		}
	}
	switch c.StorageBackend {
	case "memory", "postgres":
	default:
		return fmt.Errorf("unknown storage backend %q", c.StorageBackend)
	}
	if c.Events.MaxQueueSize <= 0 {
		return fmt.Errorf("event queue size must be positive")
	}
	return nil
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

func getEnvInt64(key string, def int64) int64 {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.ParseInt(v, 10, 64); err == nil {
			return n
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

func getEnvList(key string) []string {
	v := os.Getenv(key)
	if v == "" {
		return nil
	}
	parts := strings.Split(v, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}

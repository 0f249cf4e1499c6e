package cfg

import (
	"fmt"
	"net"
	"net/url"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/pkg/errors"
)

type Secret struct {
	value []byte
}

func NewSecret(s string) Secret {
	return Secret{value: []byte(s)}
}
func (s Secret) Value() string {
	return string(s.value)
}
func (s Secret) Wipe() {
	for i := range s.value {
		s.value[i] = 0
	}
}
func (s Secret) String() string {
	return "***REDACTED***"
}

const (
	BackendRedis    = "redis"
	BackendSQLite   = "sqlite"
	BackendPostgres = "postgres"
	BackendBolt     = "bolt"
	BackendMemory   = "memory"
)

type Cfg struct {
	Port                string
	Environment         string
	LogLevel            string
	BaseURL             string
	StoreBackend        string
	StoreTimeout        time.Duration
	RedisURL            string
	RedisHost           string
	RedisPort           string
	RedisTLS            bool
	RedisUsername       string
	RedisPassword       Secret
	RedisConnectTimeout time.Duration
	DatabasePath        string
	PostgresDSN         Secret
	BoltPath            string
	DBMaxOpenConns      int
	DBMaxIdleConns      int
	MaxPasteSize        int64
	ContextTimeout      time.Duration
	CreateMaxAttempts   int
	FetchMaxAttempts    int
	RateLimit           RateLimitCfg
	LimiterCacheSize    int
	TrustedProxies      []string
	AllowedOrigins      []string
	MetricsUser         string
	MetricsPass         Secret
}

type RateLimitCfg struct {
	RPM               int
	Burst             int
	ConservativeLimit int
	// Limits are halved for AdaptiveFor once more than FailurePercent of
	// at least FailureMinOps paste operations in FailureWindow failed.
	AdaptiveFor    time.Duration
	FailureWindow  time.Duration
	FailureMinOps  int64
	FailurePercent float64
}

func Load() (*Cfg, error) {
	c := &Cfg{}
	c.Port = getEnv("PORT", "8080")
	c.Environment = getEnv("ENVIRONMENT", "development")
	c.LogLevel = getEnv("LOG_LEVEL", "info")
	c.BaseURL = strings.TrimSuffix(getEnv("BASE_URL", ""), "/")
	c.StoreBackend = strings.ToLower(getEnv("STORE_BACKEND", BackendRedis))
	c.RedisURL = getEnv("REDIS_URL", "")
	c.RedisHost = getEnv("REDIS_HOST", "localhost")
	c.RedisPort = getEnv("REDIS_PORT", "6379")
	c.RedisTLS = getEnv("REDIS_TLS", "false") == "true"
	c.RedisUsername = getEnv("REDIS_USERNAME", "")
	c.RedisPassword = NewSecret(getEnv("REDIS_PASSWORD", ""))
	c.DatabasePath = getEnv("DATABASE_PATH", "fadebin.db")
	c.PostgresDSN = NewSecret(getEnv("POSTGRES_DSN", ""))
	c.BoltPath = getEnv("BOLT_PATH", "fadebin.bolt")
	var err error
	c.StoreTimeout, err = getDuration("STORE_TIMEOUT", 5*time.Second)
	if err != nil {
		return nil, err
	}
	c.RedisConnectTimeout, err = getDuration("REDIS_CONNECT_TIMEOUT", 10*time.Second)
	if err != nil {
		return nil, err
	}
	c.DBMaxOpenConns, err = getInt("DB_MAX_OPEN_CONNS", 25)
	if err != nil {
		return nil, err
	}
	c.DBMaxIdleConns, err = getInt("DB_MAX_IDLE_CONNS", 5)
	if err != nil {
		return nil, err
	}
	c.MaxPasteSize, err = getInt64("MAX_PASTE_SIZE", 64*1024)
	if err != nil {
		return nil, err
	}
	c.ContextTimeout, err = getDuration("CONTEXT_TIMEOUT", 10*time.Second)
	if err != nil {
		return nil, err
	}
	c.CreateMaxAttempts, err = getInt("CREATE_MAX_ATTEMPTS", 3)
	if err != nil {
		return nil, err
	}
	c.FetchMaxAttempts, err = getInt("FETCH_MAX_ATTEMPTS", 5)
	if err != nil {
		return nil, err
	}
	c.RateLimit.RPM, err = getInt("RATE_LIMIT_RPM", 600)
	if err != nil {
		return nil, err
	}
	c.RateLimit.Burst, err = getInt("RATE_LIMIT_BURST", 20)
	if err != nil {
		return nil, err
	}
	c.RateLimit.ConservativeLimit, err = getInt("RATE_LIMIT_CONSERVATIVE", 60)
	if err != nil {
		return nil, err
	}
	c.RateLimit.AdaptiveFor, err = getDuration("RATE_LIMIT_ADAPTIVE_FOR", time.Minute)
	if err != nil {
		return nil, err
	}
	c.RateLimit.FailureWindow, err = getDuration("FAILURE_WINDOW", 5*time.Minute)
	if err != nil {
		return nil, err
	}
	c.RateLimit.FailureMinOps, err = getInt64("FAILURE_MIN_OPS", 10)
	if err != nil {
		return nil, err
	}
	c.RateLimit.FailurePercent, err = getFloat("FAILURE_THRESHOLD_PERCENT", 5)
	if err != nil {
		return nil, err
	}
	c.LimiterCacheSize, err = getInt("LIMITER_CACHE_SIZE", 10000)
	if err != nil {
		return nil, err
	}
	c.TrustedProxies = getSlice("TRUSTED_PROXIES", []string{})
	c.AllowedOrigins = getSlice("ALLOWED_ORIGINS", []string{})
	c.MetricsUser = getEnv("METRICS_USER", "")
	c.MetricsPass = NewSecret(getEnv("METRICS_PASS", ""))
	return c, nil
}

// RedisAddrURL returns REDIS_URL, or one assembled from the REDIS_HOST
// style variables when it is unset.
func (c *Cfg) RedisAddrURL() string {
	if c.RedisURL != "" {
		return c.RedisURL
	}
	scheme := "redis"
	if c.RedisTLS {
		scheme = "rediss"
	}
	return scheme + "://" + net.JoinHostPort(c.RedisHost, c.RedisPort)
}

func Validate(c *Cfg) error {
	if c.Port == "" {
		return errors.New("PORT is required")
	}
	if _, err := strconv.Atoi(c.Port); err != nil {
		return errors.New("PORT must be a number")
	}
	if c.BaseURL != "" {
		u, err := url.Parse(c.BaseURL)
		if err != nil || u.Scheme == "" || u.Host == "" {
			return errors.New("BASE_URL must include scheme and host")
		}
	}
	switch c.StoreBackend {
	case BackendRedis:
		addr := c.RedisAddrURL()
		if !strings.HasPrefix(addr, "redis://") && !strings.HasPrefix(addr, "rediss://") {
			return errors.New("REDIS_URL must start with redis:// or rediss://")
		}
		if strings.HasPrefix(addr, "rediss://") && !c.RedisTLS {
			return errors.New("REDIS_URL uses rediss:// but REDIS_TLS=false")
		}
	case BackendSQLite:
		if err := validateLocalPath("DATABASE_PATH", c.DatabasePath); err != nil {
			return err
		}
	case BackendBolt:
		if err := validateLocalPath("BOLT_PATH", c.BoltPath); err != nil {
			return err
		}
	case BackendPostgres:
		if c.PostgresDSN.Value() == "" {
			return errors.New("POSTGRES_DSN is required when STORE_BACKEND=postgres")
		}
	case BackendMemory:
		if c.Environment == "production" {
			return errors.New("STORE_BACKEND=memory is not allowed in production")
		}
	default:
		return fmt.Errorf("unknown STORE_BACKEND %q", c.StoreBackend)
	}
	if c.StoreTimeout <= 0 {
		return errors.New("STORE_TIMEOUT must be positive")
	}
	if c.RedisConnectTimeout <= 0 {
		return errors.New("REDIS_CONNECT_TIMEOUT must be positive")
	}
	if c.ContextTimeout <= 0 {
		return errors.New("CONTEXT_TIMEOUT must be positive")
	}
	if c.MaxPasteSize <= 0 {
		return errors.New("MAX_PASTE_SIZE must be positive")
	}
	if c.MaxPasteSize > 10*1024*1024 {
		return errors.New("MAX_PASTE_SIZE cannot exceed 10MB")
	}
	if c.CreateMaxAttempts < 1 {
		return errors.New("CREATE_MAX_ATTEMPTS must be at least 1")
	}
	if c.FetchMaxAttempts < 1 {
		return errors.New("FETCH_MAX_ATTEMPTS must be at least 1")
	}
	if c.RateLimit.RPM <= 0 {
		return errors.New("RATE_LIMIT_RPM must be positive")
	}
	if c.RateLimit.ConservativeLimit <= 0 {
		return errors.New("RATE_LIMIT_CONSERVATIVE must be positive")
	}
	if c.RateLimit.FailurePercent < 0 || c.RateLimit.FailurePercent > 100 {
		return errors.New("FAILURE_THRESHOLD_PERCENT must be between 0 and 100")
	}
	if c.RateLimit.FailureWindow < 0 || c.RateLimit.AdaptiveFor < 0 {
		return errors.New("FAILURE_WINDOW and RATE_LIMIT_ADAPTIVE_FOR cannot be negative")
	}
	if c.LimiterCacheSize <= 0 {
		return errors.New("LIMITER_CACHE_SIZE must be positive")
	}
	for _, proxy := range c.TrustedProxies {
		if strings.Contains(proxy, "/") {
			if _, _, err := net.ParseCIDR(proxy); err != nil {
				return fmt.Errorf("invalid CIDR in TRUSTED_PROXIES: %s", proxy)
			}
		} else {
			if net.ParseIP(proxy) == nil {
				return fmt.Errorf("invalid IP in TRUSTED_PROXIES: %s", proxy)
			}
		}
	}
	if c.Environment == "production" {
		if c.MetricsUser == "" || c.MetricsPass.Value() == "" {
			return errors.New("METRICS_USER and METRICS_PASS are required in production")
		}
	}
	return nil
}
func validateLocalPath(name, path string) error {
	if path == "" {
		return fmt.Errorf("%s is required", name)
	}
	if path == ":memory:" || strings.HasPrefix(path, "file:") {
		return nil
	}
	workDir, err := os.Getwd()
	if err != nil {
		return fmt.Errorf("failed to get working directory: %w", err)
	}
	absWorkDir, err := filepath.Abs(workDir)
	if err != nil {
		return fmt.Errorf("failed to resolve working directory: %w", err)
	}
	absPath, err := filepath.Abs(path)
	if err != nil {
		return fmt.Errorf("invalid %s: %w", name, err)
	}
	if !strings.HasPrefix(absPath, absWorkDir+string(filepath.Separator)) && absPath != absWorkDir {
		return fmt.Errorf("%s must be within working directory %s", name, absWorkDir)
	}
	return nil
}
func (c *Cfg) Wipe() {
	c.RedisPassword.Wipe()
	c.PostgresDSN.Wipe()
	c.MetricsPass.Wipe()
}
func getEnv(key, fallback string) string {
	if v, ok := os.LookupEnv(key); ok {
		return v
	}
	return fallback
}
func getInt(key string, fallback int) (int, error) {
	s := getEnv(key, "")
	if s == "" {
		return fallback, nil
	}
	v, err := strconv.Atoi(s)
	if err != nil {
		return 0, fmt.Errorf("invalid integer for %s: %w", key, err)
	}
	return v, nil
}
func getInt64(key string, fallback int64) (int64, error) {
	s := getEnv(key, "")
	if s == "" {
		return fallback, nil
	}
	v, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid integer for %s: %w", key, err)
	}
	return v, nil
}
func getFloat(key string, fallback float64) (float64, error) {
	s := getEnv(key, "")
	if s == "" {
		return fallback, nil
	}
	v, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid number for %s: %w", key, err)
	}
	return v, nil
}
func getDuration(key string, fallback time.Duration) (time.Duration, error) {
	s := getEnv(key, "")
	if s == "" {
		return fallback, nil
	}
	v, err := time.ParseDuration(s)
	if err != nil {
		return 0, fmt.Errorf("invalid duration for %s: %w", key, err)
	}
	return v, nil
}
func getSlice(key string, fallback []string) []string {
	s := getEnv(key, "")
	if s == "" {
		return fallback
	}
	parts := strings.Split(s, ",")
	var result []string
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p != "" {
			result = append(result, p)
		}
	}
	return result
}

// Package config は環境変数からアプリケーション設定を読み込む。
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"net/netip"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"

	"github.com/hitoshi/teacherhelper/internal/password"
	"github.com/hitoshi/teacherhelper/internal/session"
)

// RateLimit は固定ウィンドウ型レート制限の設定。
type RateLimit struct {
	Max    int
	Window time.Duration
}

// Config はアプリケーション全体の設定を保持する。
// 環境変数から起動時に1回読み込み、イミュータブルとして扱う。
type Config struct {
	// Server
	ServerPort string
	BaseURL    string

	// Cookie
	CookieSecure bool
	CookieDomain string

	// CORS
	CORSAllowedOrigin string

	// Proxy
	TrustedProxies []netip.Prefix // X-Forwarded-Forを信頼する接続元

	// Session
	SessionStrategy        session.Strategy
	AuthSecret             string
	SessionMaxAge          int // 秒
	SessionCleanupInterval time.Duration

	// Storage
	DatabaseURL string
	RedisURL    string

	// Password
	PasswordIterations int

	// Rate Limit
	RateLimitLogin    RateLimit
	RateLimitRegister RateLimit
	RateLimitGenerate RateLimit
	RateLimitBlock    time.Duration
	RateLimitGeneral  int // req/min/client

	// Gemini
	GeminiAPIKey      string
	ImageAPIKey       string
	VideoAPIKey       string
	GeminiBaseURL     string
	TextModel         string
	LiteModel         string
	ImageModel        string
	VideoModel        string
	UpstreamTimeout   time.Duration
	VideoPollInterval time.Duration
	VideoTimeout      time.Duration
	VideoMaxSize      int64

	// Logging
	LogLevel string
}

// Load は環境変数からConfigを読み込む。
// カレントディレクトリに.envがあれば先に読み込む（既存の環境変数は上書きしない）。
// 必須環境変数が未設定、または値が不正な場合はエラーを返す。
func Load() (*Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("failed to load .env: %w", err)
	}

	cfg := &Config{}

	// Required fields
	var missing []string

	cfg.BaseURL = os.Getenv("BASE_URL")
	if cfg.BaseURL == "" {
		missing = append(missing, "BASE_URL")
	}

	cfg.SessionStrategy = session.Strategy(getEnvString("SESSION_STRATEGY", string(session.StrategyTable)))
	cfg.AuthSecret = os.Getenv("AUTH_SECRET")
	if cfg.SessionStrategy == session.StrategySigned && cfg.AuthSecret == "" {
		missing = append(missing, "AUTH_SECRET")
	}

	if len(missing) > 0 {
		return nil, fmt.Errorf("required environment variables are not set: %v", missing)
	}

	// Optional fields with defaults
	cfg.ServerPort = getEnvString("SERVER_PORT", "8080")
	cfg.CookieSecure = getEnvBool("COOKIE_SECURE", strings.HasPrefix(cfg.BaseURL, "https://"))
	cfg.CookieDomain = getEnvString("COOKIE_DOMAIN", "")
	cfg.CORSAllowedOrigin = getEnvString("CORS_ALLOWED_ORIGIN", "http://localhost:3000")

	proxies, err := parsePrefixes(getEnvString("TRUSTED_PROXIES", ""))
	if err != nil {
		return nil, fmt.Errorf("invalid TRUSTED_PROXIES: %w", err)
	}
	cfg.TrustedProxies = proxies

	cfg.SessionMaxAge = getEnvInt("SESSION_MAX_AGE", 604800)
	cfg.SessionCleanupInterval = getEnvDuration("SESSION_CLEANUP_INTERVAL", time.Hour)

	cfg.DatabaseURL = getEnvString("DATABASE_URL", "")
	cfg.RedisURL = getEnvString("REDIS_URL", "")

	cfg.PasswordIterations = getEnvInt("PASSWORD_ITERATIONS", password.DefaultIterations)

	cfg.RateLimitLogin = RateLimit{
		Max:    getEnvInt("RATE_LIMIT_LOGIN_MAX", 10),
		Window: getEnvDuration("RATE_LIMIT_LOGIN_WINDOW", time.Minute),
	}
	cfg.RateLimitRegister = RateLimit{
		Max:    getEnvInt("RATE_LIMIT_REGISTER_MAX", 5),
		Window: getEnvDuration("RATE_LIMIT_REGISTER_WINDOW", time.Minute),
	}
	cfg.RateLimitGenerate = RateLimit{
		Max:    getEnvInt("RATE_LIMIT_GENERATE_MAX", 30),
		Window: getEnvDuration("RATE_LIMIT_GENERATE_WINDOW", time.Minute),
	}
	cfg.RateLimitBlock = getEnvDuration("RATE_LIMIT_BLOCK", 15*time.Minute)
	cfg.RateLimitGeneral = getEnvInt("RATE_LIMIT_GENERAL", 120)

	cfg.GeminiAPIKey = getEnvString("GEMINI_API_KEY", os.Getenv("API_KEY"))
	cfg.ImageAPIKey = getEnvString("IMAGE_API_KEY", cfg.GeminiAPIKey)
	cfg.VideoAPIKey = getEnvString("VIDEO_API_KEY", cfg.GeminiAPIKey)
	cfg.GeminiBaseURL = getEnvString("GEMINI_BASE_URL", "https://generativelanguage.googleapis.com/v1beta")
	cfg.TextModel = getEnvString("GEMINI_TEXT_MODEL", "gemini-2.5-flash")
	cfg.LiteModel = getEnvString("GEMINI_LITE_MODEL", "gemini-2.5-flash-lite")
	cfg.ImageModel = getEnvString("GEMINI_IMAGE_MODEL", "imagen-3.0-generate-002")
	cfg.VideoModel = getEnvString("GEMINI_VIDEO_MODEL", "veo-2.0-generate-001")
	cfg.UpstreamTimeout = getEnvDuration("UPSTREAM_TIMEOUT", 60*time.Second)
	cfg.VideoPollInterval = getEnvDuration("VIDEO_POLL_INTERVAL", 5*time.Second)
	cfg.VideoTimeout = getEnvDuration("VIDEO_TIMEOUT", 5*time.Minute)
	cfg.VideoMaxSize = getEnvInt64("VIDEO_MAX_SIZE", 100<<20)

	cfg.LogLevel = getEnvString("LOG_LEVEL", "info")

	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// validate は値の組み合わせを検証する。
func (c *Config) validate() error {
	var errs []error

	switch c.SessionStrategy {
	case session.StrategyTable:
	case session.StrategySigned:
		if len(c.AuthSecret) < session.MinSecretLength {
			errs = append(errs, fmt.Errorf("AUTH_SECRET must be at least %d bytes", session.MinSecretLength))
		}
	default:
		errs = append(errs, fmt.Errorf("SESSION_STRATEGY must be %q or %q, got %q",
			session.StrategyTable, session.StrategySigned, c.SessionStrategy))
	}

	if c.SessionMaxAge <= 0 {
		errs = append(errs, fmt.Errorf("SESSION_MAX_AGE must be positive, got %d", c.SessionMaxAge))
	}
	if c.PasswordIterations < password.MinIterations {
		errs = append(errs, fmt.Errorf("PASSWORD_ITERATIONS must be at least %d, got %d",
			password.MinIterations, c.PasswordIterations))
	}
	for name, rl := range map[string]RateLimit{
		"LOGIN":    c.RateLimitLogin,
		"REGISTER": c.RateLimitRegister,
		"GENERATE": c.RateLimitGenerate,
	} {
		if rl.Max < 1 || rl.Window <= 0 {
			errs = append(errs, fmt.Errorf("RATE_LIMIT_%s_MAX and _WINDOW must be positive", name))
		}
	}
	if c.VideoPollInterval <= 0 || c.VideoTimeout <= 0 {
		errs = append(errs, errors.New("VIDEO_POLL_INTERVAL and VIDEO_TIMEOUT must be positive"))
	}

	return errors.Join(errs...)
}

// SessionTTL はセッションの有効期間を返す。
func (c *Config) SessionTTL() time.Duration {
	return time.Duration(c.SessionMaxAge) * time.Second
}

// parsePrefixes はカンマ区切りのCIDRまたはIPアドレスを解析する。
// 単一のIPアドレスは/32（IPv6は/128）として扱う。
func parsePrefixes(v string) ([]netip.Prefix, error) {
	var prefixes []netip.Prefix
	var errs []error
	for entry := range strings.SplitSeq(v, ",") {
		entry = strings.TrimSpace(entry)
		if entry == "" {
			continue
		}
		if strings.Contains(entry, "/") {
			p, err := netip.ParsePrefix(entry)
			if err != nil {
				errs = append(errs, err)
				continue
			}
			prefixes = append(prefixes, p.Masked())
			continue
		}
		addr, err := netip.ParseAddr(entry)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		addr = addr.Unmap()
		prefixes = append(prefixes, netip.PrefixFrom(addr, addr.BitLen()))
	}
	if err := errors.Join(errs...); err != nil {
		return nil, err
	}
	return prefixes, nil
}

func getEnvString(key, defaultVal string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return defaultVal
}

func getEnvInt(key string, defaultVal int) int {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal
	}
	i, err := strconv.Atoi(v)
	if err != nil {
		return defaultVal
	}
	return i
}

func getEnvInt64(key string, defaultVal int64) int64 {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal
	}
	i, err := strconv.ParseInt(v, 10, 64)
	if err != nil {
		return defaultVal
	}
	return i
}

func getEnvBool(key string, defaultVal bool) bool {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return defaultVal
	}
	return b
}

func getEnvDuration(key string, defaultVal time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return defaultVal
	}
	return d
}

// Package config provides application configuration loaded from environment
// variables with defaults and validation. It centralizes settings for the
// HTTP server, logging, the binding store, the relay and batch engines, the
// Feishu and catalog collaborators, edge protection and observability.
package config

import (
	"errors"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// DefaultWebhookAllowedHosts is used when FEISHU_WEBHOOK_ALLOWED_HOSTS is unset.
var DefaultWebhookAllowedHosts = []string{"open.feishu.cn", "open.larksuite.com"}

// CORSConfig defines Cross-Origin Resource Sharing settings.
type CORSConfig struct {
	AllowedOrigins []string
}

// SecurityConfig defines security-related settings such as HSTS.
type SecurityConfig struct {
	EnableHSTS bool
	HSTSMaxAge time.Duration
}

// OTELConfig defines OpenTelemetry observability settings.
type OTELConfig struct {
	Enabled     bool    // OTEL_ENABLED
	Endpoint    string  // OTEL_EXPORTER_OTLP_ENDPOINT (e.g. "otel:4317")
	Insecure    bool    // OTEL_EXPORTER_OTLP_INSECURE (true if no TLS)
	ServiceName string  // OTEL_SERVICE_NAME
	SampleRatio float64 // OTEL_TRACES_SAMPLER_ARG in [0..1]
}

// FeishuConfig holds the target platform app credentials.
type FeishuConfig struct {
	AppID     string
	AppSecret string
	BaseURL   string
}

// Enabled reports whether app credentials are configured.
func (f FeishuConfig) Enabled() bool { return f.AppID != "" && f.AppSecret != "" }

// Config holds all configuration values for the application.
type Config struct {
	// Server
	Port              string        // just the number
	ReadTimeout       time.Duration // e.g. 15s
	ReadHeaderTimeout time.Duration // e.g. 10s
	WriteTimeout      time.Duration // e.g. 60s
	IdleTimeout       time.Duration // e.g. 60s
	MaxHeaderBytes    int           // bytes
	GinMode           string        // debug|release|test
	APIBasePath       string        // base path for API routes
	MaxUploadBytes    int64         // multipart asset upload cap

	// Logging
	LogLevel  string // debug|info|warn|error|fatal|panic
	LogPretty bool   // pretty console logs in dev

	// Binding store
	DBPath string // SQLite path

	// Binding
	CodeTTL time.Duration
	// WebhookAllowedHosts holds the defaults when unset. Set but empty
	// yields an empty slice, which disables the host check.
	WebhookAllowedHosts []string

	// Relay
	RelayStrict bool

	// Batch
	OfferTTL   time.Duration
	BatchSize  int
	ArchiveDir string

	// Collaborators
	Feishu            FeishuConfig
	CatalogBaseURL    string
	FFmpegPath        string
	LottiePath        string
	HTTPClientTimeout time.Duration

	// Rate limiting
	RateRPS   float64 // tokens per second (>= 0)
	RateBurst int     // bucket size (>= 1)

	// Web protection
	CORS     CORSConfig
	Security SecurityConfig

	// Idempotency
	IdempotencyTTL time.Duration // how long a given Idempotency-Key is valid

	// Observability
	OTEL OTELConfig
}

// MustLoad loads the configuration and panics if validation fails.
func MustLoad() Config {
	cfg, err := Load()
	if err != nil {
		panic(err)
	}
	return cfg
}

// LoadDotEnv reads KEY=VALUE pairs from the given files (".env" when none)
// into the environment. Variables already set win; missing files are
// ignored.
func LoadDotEnv(files ...string) error {
	if len(files) == 0 {
		files = []string{".env"}
	}
	for _, f := range files {
		if _, err := os.Stat(f); errors.Is(err, os.ErrNotExist) {
			continue
		}
		if err := godotenv.Load(f); err != nil {
			return err
		}
	}
	return nil
}

// Load reads configuration from environment variables,
// applies defaults, normalizes values, and validates the result.
func Load() (Config, error) {
	cfg := Config{
		// Server
		Port:              getenv("PORT", "8080"),
		ReadTimeout:       getdur("READ_TIMEOUT", 15*time.Second),
		ReadHeaderTimeout: getdur("READ_HEADER_TIMEOUT", 10*time.Second),
		WriteTimeout:      getdur("WRITE_TIMEOUT", 60*time.Second),
		IdleTimeout:       getdur("IDLE_TIMEOUT", 60*time.Second),
		MaxHeaderBytes:    getint("MAX_HEADER_BYTES", 1<<20),
		GinMode:           strings.ToLower(getenv("GIN_MODE", "release")),
		APIBasePath:       normalizeBasePath(getenv("API_BASE_PATH", "/api/v1")),
		MaxUploadBytes:    int64(getint("MAX_UPLOAD_BYTES", 20<<20)),

		// Logging
		LogLevel:  strings.ToLower(getenv("LOG_LEVEL", "info")),
		LogPretty: getbool("LOG_PRETTY", false),

		// Binding store
		DBPath: getenv("BINDING_DB_PATH", getenv("BINDING_STORE_PATH", "data/stickerhub.db")),

		// Binding
		CodeTTL:             getCodeTTL(),
		WebhookAllowedHosts: getHosts("FEISHU_WEBHOOK_ALLOWED_HOSTS"),

		// Relay
		RelayStrict: getbool("RELAY_STRICT", false),

		// Batch
		OfferTTL:   getdur("PACK_OFFER_TTL", 15*time.Minute),
		BatchSize:  getint("PACK_BATCH_SIZE", 10),
		ArchiveDir: getenv("ARCHIVE_DIR", "data/archives"),

		// Collaborators
		Feishu: FeishuConfig{
			AppID:     strings.TrimSpace(getenv("FEISHU_APP_ID", "")),
			AppSecret: strings.TrimSpace(getenv("FEISHU_APP_SECRET", "")),
			BaseURL:   strings.TrimRight(getenv("FEISHU_BASE_URL", "https://open.feishu.cn/open-apis"), "/"),
		},
		CatalogBaseURL:    strings.TrimRight(getenv("CATALOG_BASE_URL", ""), "/"),
		FFmpegPath:        getenv("FFMPEG_PATH", "ffmpeg"),
		LottiePath:        getenv("LOTTIE_CONVERT_PATH", "lottie_convert.py"),
		HTTPClientTimeout: getdur("HTTP_CLIENT_TIMEOUT", 30*time.Second),

		// Rate limiting
		RateRPS:   getfloat("RATE_RPS", 5.0),
		RateBurst: getint("RATE_BURST", 10),

		// Web protection
		CORS: CORSConfig{
			AllowedOrigins: splitCSV(getenv("CORS_ALLOWED_ORIGINS", "")),
		},
		Security: SecurityConfig{
			EnableHSTS: getbool("ENABLE_HSTS", false),
			HSTSMaxAge: getdur("HSTS_MAX_AGE", 180*24*time.Hour),
		},

		// Idempotency
		IdempotencyTTL: getdur("IDEMPOTENCY_TTL", 24*time.Hour),

		// Observability (OpenTelemetry)
		OTEL: OTELConfig{
			Enabled:     getbool("OTEL_ENABLED", false),
			Endpoint:    getenv("OTEL_EXPORTER_OTLP_ENDPOINT", "localhost:4317"),
			Insecure:    getbool("OTEL_EXPORTER_OTLP_INSECURE", true),
			ServiceName: getenv("OTEL_SERVICE_NAME", "stickerhub"),
			SampleRatio: getfloat("OTEL_TRACES_SAMPLER_ARG", 1.0),
		},
	}

	// --- normalization ---
	if cfg.LogLevel == "warning" {
		cfg.LogLevel = "warn"
	}
	switch cfg.GinMode {
	case "debug", "release", "test":
	default:
		cfg.GinMode = "release"
	}

	// --- validation ---
	switch cfg.LogLevel {
	case "debug", "info", "warn", "error", "fatal", "panic":
	default:
		return cfg, errors.New("LOG_LEVEL must be one of: debug, info, warn, error, fatal, panic")
	}
	if strings.TrimSpace(cfg.Port) == "" {
		return cfg, errors.New("PORT must not be empty")
	}
	if cfg.ReadTimeout <= 0 || cfg.ReadHeaderTimeout <= 0 || cfg.WriteTimeout <= 0 || cfg.IdleTimeout <= 0 {
		return cfg, errors.New("timeouts must be positive durations")
	}
	if cfg.MaxHeaderBytes <= 0 {
		return cfg, errors.New("MAX_HEADER_BYTES must be > 0")
	}
	if cfg.MaxUploadBytes <= 0 {
		return cfg, errors.New("MAX_UPLOAD_BYTES must be > 0")
	}
	if strings.TrimSpace(cfg.DBPath) == "" {
		return cfg, errors.New("BINDING_DB_PATH must not be empty")
	}
	if cfg.CodeTTL <= 0 {
		return cfg, errors.New("BIND_CODE_TTL must be > 0")
	}
	if cfg.OfferTTL <= 0 {
		return cfg, errors.New("PACK_OFFER_TTL must be > 0")
	}
	if cfg.BatchSize < 1 {
		return cfg, errors.New("PACK_BATCH_SIZE must be >= 1")
	}
	if strings.TrimSpace(cfg.ArchiveDir) == "" {
		return cfg, errors.New("ARCHIVE_DIR must not be empty")
	}
	if (cfg.Feishu.AppID == "") != (cfg.Feishu.AppSecret == "") {
		return cfg, errors.New("FEISHU_APP_ID and FEISHU_APP_SECRET must be set together")
	}
	if cfg.HTTPClientTimeout <= 0 {
		return cfg, errors.New("HTTP_CLIENT_TIMEOUT must be > 0")
	}
	if cfg.RateRPS < 0 {
		return cfg, errors.New("RATE_RPS must be >= 0")
	}
	if cfg.RateBurst < 1 {
		return cfg, errors.New("RATE_BURST must be >= 1")
	}
	if cfg.Security.HSTSMaxAge < 0 {
		return cfg, errors.New("HSTS_MAX_AGE must be >= 0")
	}
	if cfg.IdempotencyTTL <= 0 {
		return cfg, errors.New("IDEMPOTENCY_TTL must be > 0")
	}
	if cfg.OTEL.SampleRatio < 0 || cfg.OTEL.SampleRatio > 1 {
		return cfg, errors.New("OTEL_TRACES_SAMPLER_ARG must be in [0,1]")
	}

	return cfg, nil
}

// ---- helpers ----

func getenv(k, def string) string {
	if v, ok := os.LookupEnv(k); ok && v != "" {
		return v
	}
	return def
}

func getfloat(k string, def float64) float64 {
	if v, ok := os.LookupEnv(k); ok && v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			return f
		}
	}
	return def
}

func getint(k string, def int) int {
	if v, ok := os.LookupEnv(k); ok && v != "" {
		if i, err := strconv.Atoi(v); err == nil {
			return i
		}
	}
	return def
}

func getbool(k string, def bool) bool {
	if v, ok := os.LookupEnv(k); ok && v != "" {
		switch strings.ToLower(strings.TrimSpace(v)) {
		case "1", "true", "yes", "y", "on":
			return true
		case "0", "false", "no", "n", "off":
			return false
		}
	}
	return def
}

func getdur(k string, def time.Duration) time.Duration {
	if v, ok := os.LookupEnv(k); ok && v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return def
}

// getCodeTTL prefers BIND_CODE_TTL and falls back to the legacy integer
// seconds variable BIND_MAGIC_TTL_SECONDS.
func getCodeTTL() time.Duration {
	const def = 10 * time.Minute
	if _, ok := os.LookupEnv("BIND_CODE_TTL"); ok {
		return getdur("BIND_CODE_TTL", def)
	}
	if secs := getint("BIND_MAGIC_TTL_SECONDS", 0); secs != 0 {
		return time.Duration(secs) * time.Second
	}
	return def
}

// getHosts distinguishes unset (defaults) from set-but-empty (empty non-nil
// slice). Hosts are lower-cased.
func getHosts(k string) []string {
	v, ok := os.LookupEnv(k)
	if !ok {
		return append([]string(nil), DefaultWebhookAllowedHosts...)
	}
	hosts := make([]string, 0, 2)
	for _, h := range splitCSV(v) {
		hosts = append(hosts, strings.ToLower(h))
	}
	return hosts
}

func splitCSV(s string) []string {
	if s == "" {
		return nil
	}
	parts := strings.Split(s, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		t := strings.TrimSpace(p)
		if t != "" {
			out = append(out, t)
		}
	}
	return out
}

// normalizeBasePath ensures leading '/' and strips trailing '/' (except root).
func normalizeBasePath(p string) string {
	p = strings.TrimSpace(p)
	if p == "" {
		return "/"
	}
	if !strings.HasPrefix(p, "/") {
		p = "/" + p
	}
	if len(p) > 1 && strings.HasSuffix(p, "/") {
		p = strings.TrimRight(p, "/")
	}
	return p
}

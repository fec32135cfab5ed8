// Package config provides application configuration loaded from environment
// variables with defaults and validation. It centralizes application settings
// such as server timeouts, logging, database paths, rate limiting,
// observability, and the amoCRM integration values (base URL, OAuth client,
// pipeline targets, custom-field mapping).
package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"
)

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
	ServiceName string  // OTEL_SERVICE_NAME (e.g. "go-form-crm-bridge")
	SampleRatio float64 // OTEL_TRACES_SAMPLER_ARG in [0..1]
}

// AmoConfig holds everything needed to talk to the amoCRM account:
// the account base URL, OAuth client credentials for token refresh,
// statically seeded tokens, and the lead pipeline targets.
//
// AccessToken/RefreshToken are fallbacks only: tokens persisted in the
// credential store always take precedence. When ClientID/ClientSecret are
// empty, refresh is disabled and the static access token is assumed
// long-lived.
type AmoConfig struct {
	BaseURL      string // AMO_BASE_URL, e.g. "https://acme.amocrm.ru"
	ClientID     string // AMO_CLIENT_ID
	ClientSecret string // AMO_CLIENT_SECRET
	RedirectURI  string // AMO_REDIRECT_URI
	AccessToken  string // AMO_ACCESS_TOKEN (static fallback)
	RefreshToken string // AMO_REFRESH_TOKEN (static fallback)
	PipelineID   int    // AMO_PIPELINE_ID (required)
	StatusID     int    // AMO_STATUS_ID (optional initial stage, 0 = pipeline default)
}

// Config holds all configuration values for the application.
type Config struct {
	// Server
	Port              string        // just the number
	ReadTimeout       time.Duration // e.g. 15s
	ReadHeaderTimeout time.Duration // e.g. 10s
	WriteTimeout      time.Duration // e.g. 20s
	IdleTimeout       time.Duration // e.g. 60s
	MaxHeaderBytes    int           // bytes
	GinMode           string        // debug|release|test

	// Logging
	LogLevel    string // debug|info|warn|error|fatal|panic
	LogPretty   bool   // pretty console logs in dev
	APIBasePath string // base path for admin API routes

	// App
	DBPath        string // SQLite path
	WebhookSecret string // Typeform webhook signing secret ("" disables verification)

	// amoCRM integration
	Amo AmoConfig

	// FieldMap is the dynamic ref→custom-field-id table applied by the field
	// mapper after the built-in rules (last write wins on collisions).
	// Loaded from AMO_FIELD_MAP as a JSON object, e.g. {"budget":"642193"}.
	FieldMap map[string]int

	// Rate limiting
	RateRPS   float64 // tokens per second (>= 0)
	RateBurst int     // bucket size (>= 1)

	// Web protection
	CORS     CORSConfig
	Security SecurityConfig

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

// Load reads configuration from environment variables,
// applies defaults, normalizes values, and validates the result.
func Load() (Config, error) {
	cfg := Config{
		// Server
		Port:              getenv("PORT", "8080"),
		ReadTimeout:       getdur("READ_TIMEOUT", 15*time.Second),
		ReadHeaderTimeout: getdur("READ_HEADER_TIMEOUT", 10*time.Second),
		WriteTimeout:      getdur("WRITE_TIMEOUT", 20*time.Second),
		IdleTimeout:       getdur("IDLE_TIMEOUT", 60*time.Second),
		MaxHeaderBytes:    getint("MAX_HEADER_BYTES", 1<<20),
		GinMode:           strings.ToLower(getenv("GIN_MODE", "release")),

		// Logging
		LogLevel:    strings.ToLower(getenv("LOG_LEVEL", "info")),
		LogPretty:   getbool("LOG_PRETTY", false),
		APIBasePath: normalizeBasePath(getenv("API_BASE_PATH", "/api/v1")),

		// App
		DBPath:        getenv("DB_PATH", "bridge.db"),
		WebhookSecret: getenv("TYPEFORM_WEBHOOK_SECRET", ""),

		// amoCRM
		Amo: AmoConfig{
			BaseURL:      strings.TrimRight(getenv("AMO_BASE_URL", ""), "/"),
			ClientID:     getenv("AMO_CLIENT_ID", ""),
			ClientSecret: getenv("AMO_CLIENT_SECRET", ""),
			RedirectURI:  getenv("AMO_REDIRECT_URI", ""),
			AccessToken:  getenv("AMO_ACCESS_TOKEN", ""),
			RefreshToken: getenv("AMO_REFRESH_TOKEN", ""),
			PipelineID:   getint("AMO_PIPELINE_ID", 0),
			StatusID:     getint("AMO_STATUS_ID", 0),
		},

		// Rate limiting
		RateRPS:   getfloat("RATE_RPS", 25.0),
		RateBurst: getint("RATE_BURST", 50),

		// Web protection
		CORS: CORSConfig{
			AllowedOrigins: splitCSV(getenv("CORS_ALLOWED_ORIGINS", "")),
		},
		Security: SecurityConfig{
			EnableHSTS: getbool("ENABLE_HSTS", false),
			HSTSMaxAge: getdur("HSTS_MAX_AGE", 180*24*time.Hour),
		},

		// Observability (OpenTelemetry)
		OTEL: OTELConfig{
			Enabled:     getbool("OTEL_ENABLED", false),
			Endpoint:    getenv("OTEL_EXPORTER_OTLP_ENDPOINT", "localhost:4317"),
			Insecure:    getbool("OTEL_EXPORTER_OTLP_INSECURE", true),
			ServiceName: getenv("OTEL_SERVICE_NAME", "go-form-crm-bridge"),
			SampleRatio: getfloat("OTEL_TRACES_SAMPLER_ARG", 1.0),
		},
	}

	// Dynamic ref→field-id table (JSON object; values may be strings or numbers).
	fm, err := parseFieldMap(getenv("AMO_FIELD_MAP", ""))
	if err != nil {
		return cfg, err
	}
	cfg.FieldMap = fm

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
	if strings.TrimSpace(cfg.DBPath) == "" {
		return cfg, errors.New("DB_PATH must not be empty")
	}
	if cfg.Amo.BaseURL == "" {
		return cfg, errors.New("AMO_BASE_URL must not be empty")
	}
	if u, err := url.Parse(cfg.Amo.BaseURL); err != nil || u.Scheme == "" || u.Host == "" {
		return cfg, errors.New("AMO_BASE_URL must be an absolute URL")
	}
	if cfg.Amo.PipelineID <= 0 {
		return cfg, errors.New("AMO_PIPELINE_ID must be > 0")
	}
	if cfg.Amo.StatusID < 0 {
		return cfg, errors.New("AMO_STATUS_ID must be >= 0")
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
	if cfg.OTEL.SampleRatio < 0 || cfg.OTEL.SampleRatio > 1 {
		return cfg, errors.New("OTEL_TRACES_SAMPLER_ARG must be in [0,1]")
	}

	return cfg, nil
}

// parseFieldMap decodes the AMO_FIELD_MAP JSON object into a ref→field-id
// table. Field ids may appear as JSON numbers or numeric strings; anything
// else is a configuration error.
func parseFieldMap(raw string) (map[string]int, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil, nil
	}
	var loose map[string]any
	if err := json.Unmarshal([]byte(raw), &loose); err != nil {
		return nil, fmt.Errorf("AMO_FIELD_MAP must be a JSON object: %w", err)
	}
	out := make(map[string]int, len(loose))
	for ref, v := range loose {
		switch t := v.(type) {
		case float64:
			out[ref] = int(t)
		case string:
			n, err := strconv.Atoi(strings.TrimSpace(t))
			if err != nil {
				return nil, fmt.Errorf("AMO_FIELD_MAP[%q]: not a field id: %q", ref, t)
			}
			out[ref] = n
		default:
			return nil, fmt.Errorf("AMO_FIELD_MAP[%q]: field id must be a number or numeric string", ref)
		}
	}
	return out, nil
}

// ---- helpers (no external deps) ----

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

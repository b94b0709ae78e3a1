// Package config provides application configuration. Runtime settings
// (server timeouts, logging, database path, rate limiting, observability)
// come from environment variables with defaults and validation; the
// orchestration topology (containers, socks proxies, profiles, prompts)
// comes from a YAML file pointed to by CONFIG_PATH.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// CORSConfig defines Cross-Origin Resource Sharing settings.
type CORSConfig struct {
	AllowedOrigins []string
}

// OTELConfig defines OpenTelemetry observability settings.
type OTELConfig struct {
	Enabled     bool    // OTEL_ENABLED
	Endpoint    string  // OTEL_EXPORTER_OTLP_ENDPOINT (e.g. "otel:4317")
	Insecure    bool    // OTEL_EXPORTER_OTLP_INSECURE (true if no TLS)
	ServiceName string  // OTEL_SERVICE_NAME
	SampleRatio float64 // OTEL_TRACES_SAMPLER_ARG in [0..1]
}

// Config holds all environment-driven settings for the orchestrator process.
type Config struct {
	// Server
	Port              string        // just the number
	ReadTimeout       time.Duration // e.g. 15s
	ReadHeaderTimeout time.Duration // e.g. 10s
	WriteTimeout      time.Duration // must exceed the longest upstream read timeout
	IdleTimeout       time.Duration // e.g. 60s
	MaxHeaderBytes    int           // bytes
	GinMode           string        // debug|release|test

	// Logging
	LogLevel  string // ORCH_LOG_LEVEL (falls back to LOG_LEVEL)
	LogPretty bool   // pretty console logs in dev

	// Orchestration
	ConfigPath string // CONFIG_PATH (required), YAML topology
	SQLitePath string // SQLITE_PATH

	// Rate limiting
	RateRPS   float64 // tokens per second (>= 0)
	RateBurst int     // bucket size (>= 1)

	// Web protection
	CORS CORSConfig

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
		WriteTimeout:      getdur("WRITE_TIMEOUT", 300*time.Second),
		IdleTimeout:       getdur("IDLE_TIMEOUT", 60*time.Second),
		MaxHeaderBytes:    getint("MAX_HEADER_BYTES", 1<<20),
		GinMode:           strings.ToLower(getenv("GIN_MODE", "release")),

		// Logging
		LogLevel:  strings.ToLower(getenv("ORCH_LOG_LEVEL", getenv("LOG_LEVEL", "info"))),
		LogPretty: getbool("LOG_PRETTY", false),

		// Orchestration
		ConfigPath: getenv("CONFIG_PATH", ""),
		SQLitePath: getenv("SQLITE_PATH", "./data/orchestrator.sqlite"),

		// Rate limiting
		RateRPS:   getfloat("RATE_RPS", 20.0),
		RateBurst: getint("RATE_BURST", 40),

		// Web protection
		CORS: CORSConfig{
			AllowedOrigins: splitCSV(getenv("CORS_ALLOWED_ORIGINS", "")),
		},

		// Observability (OpenTelemetry)
		OTEL: OTELConfig{
			Enabled:     getbool("OTEL_ENABLED", false),
			Endpoint:    getenv("OTEL_EXPORTER_OTLP_ENDPOINT", "localhost:4317"),
			Insecure:    getbool("OTEL_EXPORTER_OTLP_INSECURE", true),
			ServiceName: getenv("OTEL_SERVICE_NAME", "browser-orchestrator"),
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
		return cfg, errors.New("ORCH_LOG_LEVEL must be one of: debug, info, warn, error, fatal, panic")
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
	if strings.TrimSpace(cfg.ConfigPath) == "" {
		return cfg, errors.New("CONFIG_PATH is required")
	}
	if strings.TrimSpace(cfg.SQLitePath) == "" {
		return cfg, errors.New("SQLITE_PATH must not be empty")
	}
	if cfg.RateRPS < 0 {
		return cfg, errors.New("RATE_RPS must be >= 0")
	}
	if cfg.RateBurst < 1 {
		return cfg, errors.New("RATE_BURST must be >= 1")
	}
	if cfg.OTEL.SampleRatio < 0 || cfg.OTEL.SampleRatio > 1 {
		return cfg, errors.New("OTEL_TRACES_SAMPLER_ARG must be in [0,1]")
	}

	return cfg, nil
}

//
// ---- YAML topology (CONFIG_PATH) ----
//

// ContainerTimeouts holds per-container upstream HTTP timeouts in seconds.
type ContainerTimeouts struct {
	ConnectSeconds float64 `yaml:"connect_seconds"`
	ReadSeconds    float64 `yaml:"read_seconds"`
}

// ContainerConfig describes one browser-automation worker.
type ContainerConfig struct {
	ID             string            `yaml:"id"`
	BaseURL        string            `yaml:"base_url"`
	Enabled        *bool             `yaml:"enabled"` // nil means true
	Weight         int               `yaml:"weight"`
	Timeouts       ContainerTimeouts `yaml:"timeouts"`
	AnalyzeRetries int               `yaml:"analyze_retries"`
}

// IsEnabled reports whether the container participates in selection at
// startup. An omitted enabled key defaults to true.
func (c ContainerConfig) IsEnabled() bool {
	return c.Enabled == nil || *c.Enabled
}

// SocksConfig maps a socks id to its proxy URL.
type SocksConfig struct {
	SocksID string `yaml:"socks_id"`
	URL     string `yaml:"url"`
}

// ProfileConfig describes a logical browser profile.
type ProfileConfig struct {
	ProfileID         string   `yaml:"profile_id"`
	ProfileValue      string   `yaml:"profile_value"`
	SocksID           string   `yaml:"socks_id"`
	AllowedContainers []string `yaml:"allowed_containers"`
	MaxUses           *int     `yaml:"max_uses"`
	PendingReplace    bool     `yaml:"pending_replace"`
}

// PromptConfig maps a prompt id to its start-prompt file and the default
// chat reuse bound for sessions created under it.
type PromptConfig struct {
	PromptID           string `yaml:"prompt_id"`
	File               string `yaml:"file"`
	DefaultMaxChatUses int    `yaml:"default_max_chat_uses"`
}

// ContainerIOLogConfig controls per-container request/response JSONL logging.
type ContainerIOLogConfig struct {
	Enabled       bool   `yaml:"enabled"`
	Dir           string `yaml:"dir"`
	MaxBytes      int    `yaml:"max_bytes"`
	BackupCount   int    `yaml:"backup_count"`
	IncludeBodies bool   `yaml:"include_bodies"`
	RedactSecrets bool   `yaml:"redact_secrets"`
	MaxFieldChars int    `yaml:"max_field_chars"`
	Level         string `yaml:"level"`
}

// DefaultServiceRootURL is opened by a container when a brand-new chat has
// to be created and no /c/<id> page is assigned yet.
const DefaultServiceRootURL = "https://chat.qwen.ai/"

// App is the YAML orchestration topology loaded from CONFIG_PATH.
type App struct {
	Containers []ContainerConfig `yaml:"containers"`
	Socks      []SocksConfig     `yaml:"socks"`
	Profiles   []ProfileConfig   `yaml:"profiles"`
	Prompts    []PromptConfig    `yaml:"prompts"`

	// AllowSocksOverride controls whether solve requests may override the
	// profile's socks binding via options.socks_override. Defaults to true.
	AllowSocksOverride *bool `yaml:"allow_socks_override"`

	// ServiceRootURL is the remote service root page used for new chats.
	ServiceRootURL string `yaml:"service_root_url"`

	ContainerIOLog ContainerIOLogConfig `yaml:"container_io_log"`

	// Dir is the directory of the loaded YAML file. Relative paths in the
	// config (prompt files, log dirs) resolve against it.
	Dir string `yaml:"-"`
}

// SocksOverrideAllowed reports the allow_socks_override setting.
func (a *App) SocksOverrideAllowed() bool {
	return a.AllowSocksOverride == nil || *a.AllowSocksOverride
}

// LoadApp reads and validates the YAML topology at path. A top-level
// "config:" wrapper key is accepted. Relative prompt file paths and the
// IO-log directory are resolved against the config file's directory, and
// ORCH_CONTAINER_IO_LOG_* environment variables override the corresponding
// YAML fields (env beats YAML).
func LoadApp(path string) (*App, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config %s: %w", path, err)
	}

	var wrapper struct {
		Config *App `yaml:"config"`
	}
	app := &App{}
	if err := yaml.Unmarshal(raw, &wrapper); err != nil {
		return nil, fmt.Errorf("parse config %s: %w", path, err)
	}
	if wrapper.Config != nil {
		app = wrapper.Config
	} else if err := yaml.Unmarshal(raw, app); err != nil {
		return nil, fmt.Errorf("parse config %s: %w", path, err)
	}
	applyAppDefaults(app)

	for i, c := range app.Containers {
		if strings.TrimSpace(c.ID) == "" {
			return nil, fmt.Errorf("containers[%d]: id is required", i)
		}
		if strings.TrimSpace(c.BaseURL) == "" {
			return nil, fmt.Errorf("container %q: base_url is required", c.ID)
		}
	}
	for i, p := range app.Profiles {
		if strings.TrimSpace(p.ProfileID) == "" {
			return nil, fmt.Errorf("profiles[%d]: profile_id is required", i)
		}
		if strings.TrimSpace(p.ProfileValue) == "" {
			return nil, fmt.Errorf("profile %q: profile_value is required", p.ProfileID)
		}
	}
	for i, p := range app.Prompts {
		if strings.TrimSpace(p.PromptID) == "" {
			return nil, fmt.Errorf("prompts[%d]: prompt_id is required", i)
		}
	}

	abs, err := filepath.Abs(path)
	if err != nil {
		abs = path
	}
	app.Dir = filepath.Dir(abs)
	app.ContainerIOLog.Dir = resolveRelative(app.Dir, app.ContainerIOLog.Dir)
	for i := range app.Prompts {
		app.Prompts[i].File = resolveRelative(app.Dir, app.Prompts[i].File)
	}

	applyIOLogEnv(&app.ContainerIOLog)
	return app, nil
}

func applyAppDefaults(app *App) {
	if strings.TrimSpace(app.ServiceRootURL) == "" {
		app.ServiceRootURL = DefaultServiceRootURL
	}
	l := &app.ContainerIOLog
	if strings.TrimSpace(l.Dir) == "" {
		l.Dir = "./logs/container-io"
	}
	if l.MaxBytes <= 0 {
		l.MaxBytes = 10_000_000
	}
	if l.BackupCount <= 0 {
		l.BackupCount = 5
	}
	if l.MaxFieldChars <= 0 {
		l.MaxFieldChars = 8000
	}
	if strings.TrimSpace(l.Level) == "" {
		l.Level = "info"
	}
}

func applyIOLogEnv(l *ContainerIOLogConfig) {
	if v, ok := os.LookupEnv("ORCH_CONTAINER_IO_LOG_ENABLED"); ok {
		l.Enabled = parseBool(v, l.Enabled)
	}
	if v, ok := os.LookupEnv("ORCH_CONTAINER_IO_LOG_DIR"); ok && strings.TrimSpace(v) != "" {
		l.Dir = strings.TrimSpace(v)
	}
	if v, ok := os.LookupEnv("ORCH_CONTAINER_IO_LOG_MAX_BYTES"); ok {
		l.MaxBytes = parseInt(v, l.MaxBytes)
	}
	if v, ok := os.LookupEnv("ORCH_CONTAINER_IO_LOG_BACKUP_COUNT"); ok {
		l.BackupCount = parseInt(v, l.BackupCount)
	}
	if v, ok := os.LookupEnv("ORCH_CONTAINER_IO_LOG_INCLUDE_BODIES"); ok {
		l.IncludeBodies = parseBool(v, l.IncludeBodies)
	}
	if v, ok := os.LookupEnv("ORCH_CONTAINER_IO_LOG_REDACT_SECRETS"); ok {
		l.RedactSecrets = parseBool(v, l.RedactSecrets)
	}
	if v, ok := os.LookupEnv("ORCH_CONTAINER_IO_LOG_MAX_FIELD_CHARS"); ok {
		l.MaxFieldChars = parseInt(v, l.MaxFieldChars)
	}
	if v, ok := os.LookupEnv("ORCH_CONTAINER_IO_LOG_LEVEL"); ok && strings.TrimSpace(v) != "" {
		l.Level = strings.TrimSpace(v)
	}
}

func resolveRelative(baseDir, p string) string {
	v := strings.TrimSpace(p)
	if v == "" || filepath.IsAbs(v) {
		return p
	}
	return filepath.Join(baseDir, v)
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
		return parseBool(v, def)
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

func parseBool(v string, def bool) bool {
	switch strings.ToLower(strings.TrimSpace(v)) {
	case "1", "true", "yes", "y", "on":
		return true
	case "0", "false", "no", "n", "off":
		return false
	}
	return def
}

func parseInt(v string, def int) int {
	if i, err := strconv.Atoi(strings.TrimSpace(v)); err == nil {
		return i
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

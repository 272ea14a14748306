package config

import (
	"log/slog"
	"net"
	"net/url"
	"os"
	"strconv"
	"time"
)

type Config struct {
	Server        ServerConfig        `yaml:"server"`
	Proxy         ProxyConfig         `yaml:"proxy"`
	Database      DatabaseConfig      `yaml:"database"`
	Redis         RedisConfig         `yaml:"redis"`
	Telemetry     TelemetryConfig     `yaml:"telemetry"`
	Filter        FilterConfig        `yaml:"filter"`
	Routing       RoutingConfig       `yaml:"routing"`
	Compaction    CompactionConfig    `yaml:"compaction"`
	Hooks         HooksConfig         `yaml:"hooks"`
	Auth          AuthConfig          `yaml:"auth"`
	RateLimit     RateLimitConfig     `yaml:"rate_limit"`
	TokenTracking TokenTrackingConfig `yaml:"token_tracking"`
	Session       SessionConfig       `yaml:"session"`
	Rules         RulesConfig         `yaml:"rules"`
	Tools         ToolsConfig         `yaml:"tools"`
}

type ServerConfig struct {
	Host             string        `yaml:"host"`
	Port             int           `yaml:"port"`
	ReadTimeout      time.Duration `yaml:"read_timeout"`
	WriteTimeout     time.Duration `yaml:"write_timeout"`
	IdleTimeout      time.Duration `yaml:"idle_timeout"`
	GracefulShutdown time.Duration `yaml:"graceful_shutdown"`
}

// ProxyConfig controls how chat requests reach the upstream providers.
type ProxyConfig struct {
	// Target is the provider used when the model name has no known prefix,
	// and the destination of the /v1/* passthrough.
	Target          string        `yaml:"target"`
	UpstreamTimeout time.Duration `yaml:"upstream_timeout"`
	// NormalizeResponses rewrites non-streaming upstream bodies into the
	// chat-completion shape instead of relaying them untouched.
	NormalizeResponses bool `yaml:"normalize_responses"`
	MaxBodyBytes       int64 `yaml:"max_body_bytes"`
}

// DatabaseConfig locates the Postgres database holding gateway keys and
// usage events. URL, when set, takes precedence over the discrete fields.
type DatabaseConfig struct {
	Enabled         bool          `yaml:"enabled"`
	URL             string        `yaml:"url"`
	Host            string        `yaml:"host"`
	Port            int           `yaml:"port"`
	Name            string        `yaml:"name"`
	User            string        `yaml:"user"`
	Password        string        `yaml:"password"`
	MaxOpenConns    int           `yaml:"max_open_conns"`
	ConnMaxLifetime time.Duration `yaml:"conn_max_lifetime"`
}

func (d DatabaseConfig) DSN() string {
	if d.URL != "" {
		return d.URL
	}
	u := url.URL{
		Scheme:   "postgres",
		User:     url.UserPassword(d.User, d.Password),
		Host:     net.JoinHostPort(d.Host, strconv.Itoa(d.Port)),
		Path:     "/" + d.Name,
		RawQuery: "sslmode=disable",
	}
	return u.String()
}

// ResolveDatabaseURL picks the database for the command-line tools: an
// explicit URL, then $DATABASE_URL, then the database section of
// gateway.yaml in configDir.
func ResolveDatabaseURL(explicit, configDir string) (string, error) {
	if explicit != "" {
		return explicit, nil
	}
	if v := os.Getenv("DATABASE_URL"); v != "" {
		return v, nil
	}
	l := NewLoader(configDir, slog.New(slog.DiscardHandler))
	if err := l.Load(); err != nil {
		return "", err
	}
	return l.Config().Database.DSN(), nil
}

type RedisConfig struct {
	Addresses []string `yaml:"addresses"`
	Password  string   `yaml:"password"`
	DB        int      `yaml:"db"`
	PoolSize  int      `yaml:"pool_size"`
}

type TelemetryConfig struct {
	LogLevel  string `yaml:"log_level"`
	LogFormat string `yaml:"log_format"`
}

type FilterConfig struct {
	Secrets   SecretsFilterConfig   `yaml:"secrets"`
	Injection InjectionFilterConfig `yaml:"injection"`
	Policy    PolicyFilterConfig    `yaml:"policy"`
	ToolGuard ToolGuardConfig       `yaml:"tool_guard"`
}

// SecretsFilterConfig extends the built-in credential patterns. Allow lists
// literal values (documentation examples, test fixtures) that never block.
type SecretsFilterConfig struct {
	Enabled  bool            `yaml:"enabled"`
	Patterns []SecretPattern `yaml:"patterns"`
	Allow    []string        `yaml:"allow"`
}

type SecretPattern struct {
	Name  string `yaml:"name"`
	Regex string `yaml:"regex"`
}

// InjectionFilterConfig sets the severity thresholds. Tool results are
// scanned only when ScanToolResults is set, with their severity scaled by
// ToolResultWeight.
type InjectionFilterConfig struct {
	Enabled          bool    `yaml:"enabled"`
	BlockThreshold   float64 `yaml:"block_threshold"`
	FlagThreshold    float64 `yaml:"flag_threshold"`
	ScanToolResults  bool    `yaml:"scan_tool_results"`
	ToolResultWeight float64 `yaml:"tool_result_weight"`
}

type PolicyFilterConfig struct {
	Enabled           bool          `yaml:"enabled"`
	BundlePath        string        `yaml:"bundle_path"`
	EvaluationTimeout time.Duration `yaml:"evaluation_timeout"`
}

// ToolGuardConfig is the deny-list checked against every tool call in the
// conversation before PreToolUse hooks run. An empty list selects the
// built-in patterns.
type ToolGuardConfig struct {
	Enabled  bool     `yaml:"enabled"`
	Patterns []string `yaml:"patterns"`
}

type RoutingConfig struct {
	CircuitBreaker CircuitBreakerConfig `yaml:"circuit_breaker"`
}

type CircuitBreakerConfig struct {
	Enabled               bool          `yaml:"enabled"`
	FailureThreshold      int           `yaml:"failure_threshold"`
	ErrorRateThreshold    float64       `yaml:"error_rate_threshold"`
	ErrorRateWindow       time.Duration `yaml:"error_rate_window"`
	RecoveryProbeInterval time.Duration `yaml:"recovery_probe_interval"`
}

type CompactionConfig struct {
	Enabled           bool    `yaml:"enabled"`
	Threshold         float64 `yaml:"threshold"`
	PreserveRecent    int     `yaml:"preserve_recent"`
	PreserveSystem    bool    `yaml:"preserve_system"`
	PreserveToolCalls bool    `yaml:"preserve_tool_calls"`
	SummaryPrompt     string  `yaml:"summary_prompt"`
}

type HooksConfig struct {
	Enabled bool `yaml:"enabled"`
	// File is the native hook configuration, relative to the config dir.
	File string `yaml:"file"`
	// ClaudeSettings imports hooks from .claude/settings.json.
	ClaudeSettings bool   `yaml:"claude_settings"`
	ProjectDir     string `yaml:"project_dir"`
}

// AuthConfig controls gateway API keys. When Required is false, requests
// without a gateway key are forwarded with the caller's provider key.
type AuthConfig struct {
	Required bool          `yaml:"required"`
	CacheTTL time.Duration `yaml:"cache_ttl"`
}

type RateLimitConfig struct {
	Enabled bool `yaml:"enabled"`
	// DefaultRPM applies to keys without their own limit.
	DefaultRPM int `yaml:"default_rpm"`
	// DefaultDailyTokens applies to keys without their own budget. Zero
	// means unlimited.
	DefaultDailyTokens int64 `yaml:"default_daily_tokens"`
}

type TokenTrackingConfig struct {
	Enabled  bool `yaml:"enabled"`
	LogUsage bool `yaml:"log_usage"`
	// WarnThreshold is the share of the context window above which the
	// pre-flight estimate is logged as a warning.
	WarnThreshold float64 `yaml:"warn_threshold"`
}

type SessionConfig struct {
	TTL time.Duration `yaml:"ttl"`
}

type RulesConfig struct {
	Dir string `yaml:"dir"`
}

type ToolsConfig struct {
	Definitions []ToolDefinition `yaml:"definitions"`
}

// ToolDefinition is a function tool appended to every chat request.
type ToolDefinition struct {
	Name        string         `yaml:"name"`
	Description string         `yaml:"description"`
	Parameters  map[string]any `yaml:"parameters"`
}

func DefaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			Host:             "0.0.0.0",
			Port:             8080,
			ReadTimeout:      30 * time.Second,
			WriteTimeout:     10 * time.Minute,
			IdleTimeout:      120 * time.Second,
			GracefulShutdown: 30 * time.Second,
		},
		Proxy: ProxyConfig{
			Target:          "anthropic",
			UpstreamTimeout: 5 * time.Minute,
			MaxBodyBytes:    32 << 20,
		},
		Database: DatabaseConfig{
			Host:            "localhost",
			Port:            5432,
			Name:            "meridian",
			User:            "meridian",
			MaxOpenConns:    25,
			ConnMaxLifetime: 5 * time.Minute,
		},
		Redis: RedisConfig{
			Addresses: []string{"localhost:6379"},
			DB:        0,
			PoolSize:  50,
		},
		Telemetry: TelemetryConfig{
			LogLevel:  "info",
			LogFormat: "json",
		},
		Filter: FilterConfig{
			Secrets: SecretsFilterConfig{Enabled: true},
			Injection: InjectionFilterConfig{
				Enabled:          true,
				BlockThreshold:   0.9,
				FlagThreshold:    0.7,
				ToolResultWeight: 0.5,
			},
			Policy: PolicyFilterConfig{
				Enabled:           false,
				BundlePath:        "policies",
				EvaluationTimeout: 100 * time.Millisecond,
			},
			ToolGuard: ToolGuardConfig{Enabled: true},
		},
		Routing: RoutingConfig{
			CircuitBreaker: CircuitBreakerConfig{
				Enabled:               true,
				FailureThreshold:      5,
				ErrorRateThreshold:    0.5,
				ErrorRateWindow:       30 * time.Second,
				RecoveryProbeInterval: 15 * time.Second,
			},
		},
		Compaction: CompactionConfig{
			Enabled:           true,
			Threshold:         0.85,
			PreserveRecent:    4,
			PreserveSystem:    true,
			PreserveToolCalls: true,
		},
		Hooks: HooksConfig{
			Enabled:        true,
			File:           "hooks.yaml",
			ClaudeSettings: true,
		},
		Auth: AuthConfig{
			Required: false,
			CacheTTL: 5 * time.Minute,
		},
		RateLimit: RateLimitConfig{
			Enabled:    true,
			DefaultRPM: 60,
		},
		TokenTracking: TokenTrackingConfig{
			Enabled:       true,
			LogUsage:      true,
			WarnThreshold: 0.75,
		},
		Session: SessionConfig{
			TTL: 30 * time.Minute,
		},
		Rules: RulesConfig{
			Dir: ".meridian/rules",
		},
	}
}

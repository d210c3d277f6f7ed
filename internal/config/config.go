package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// Config is one immutable snapshot of the worker configuration. The
// scheduler re-reads a snapshot at the top of every cycle.
type Config struct {
	DatabaseURL     string `yaml:"database_url"`
	ListenAddr      string `yaml:"listen_addr"`
	ShutdownTimeout int    `yaml:"shutdown_timeout"` // seconds
	TimeZone        string `yaml:"timezone"`

	// Scheduling
	ScheduledRefreshEnabled bool   `yaml:"scheduled_refresh_enabled"`
	RefreshCron             string `yaml:"refresh_cron"`
	LegacyIntervalMinutes   int    `yaml:"legacy_interval_minutes"`
	BatchSize               int    `yaml:"batch_size"`
	BatchIntervalMinutes    int    `yaml:"batch_interval_minutes"`
	RefreshWindowHours      int    `yaml:"refresh_window_hours"`
	CooldownHours           int    `yaml:"cooldown_hours"`
	DeleteExpiredAccounts   bool   `yaml:"delete_expired_accounts"`
	AutoRegisterEnabled     bool   `yaml:"auto_register_enabled"`
	MinAccountCount         int    `yaml:"min_account_count"`

	// Automation passthrough (consumed by the browser driver)
	BrowserHeadless bool   `yaml:"browser_headless"`
	ProxyForAuth    string `yaml:"proxy_for_auth"`

	// Registration
	TempMailProvider string `yaml:"temp_mail_provider"`
	RegisterDomain   string `yaml:"register_domain"`

	// Mail provider credentials
	MicrosoftTenant   string `yaml:"microsoft_tenant"`
	DuckmailBaseURL   string `yaml:"duckmail_base_url"`
	DuckmailAPIKey    string `yaml:"duckmail_api_key"`
	MoemailBaseURL    string `yaml:"moemail_base_url"`
	MoemailAPIKey     string `yaml:"moemail_api_key"`
	MoemailDomain     string `yaml:"moemail_domain"`
	FreemailBaseURL   string `yaml:"freemail_base_url"`
	FreemailJWTToken  string `yaml:"freemail_jwt_token"`
	FreemailDomain    string `yaml:"freemail_domain"`
	FreemailVerifySSL bool   `yaml:"freemail_verify_ssl"`
	GptmailBaseURL    string `yaml:"gptmail_base_url"`
	GptmailAPIKey     string `yaml:"gptmail_api_key"`
	GptmailDomain     string `yaml:"gptmail_domain"`
	GptmailVerifySSL  bool   `yaml:"gptmail_verify_ssl"`
}

// Source yields a fresh configuration snapshot. Implementations must be
// safe to call once per scheduling cycle.
type Source interface {
	Load() (*Config, error)
}

// Defaults returns the built-in configuration.
func Defaults() *Config {
	return &Config{
		ListenAddr:              ":8787",
		ShutdownTimeout:         30,
		TimeZone:                "Asia/Shanghai",
		ScheduledRefreshEnabled: true,
		RefreshCron:             "08:00,20:00",
		BatchSize:               5,
		BatchIntervalMinutes:    2,
		RefreshWindowHours:      6,
		CooldownHours:           2,
		BrowserHeadless:         true,
		TempMailProvider:        "duckmail",
		MicrosoftTenant:         "consumers",
		FreemailVerifySSL:       true,
		GptmailVerifySSL:        true,
	}
}

// Loader reads configuration from an optional YAML file overlaid by
// environment variables (env wins). A .env file fills in variables that
// are not already exported; it never overrides them.
type Loader struct {
	Path string // YAML file, optional
}

// NewLoader builds a Loader honoring the CONFIG_FILE environment variable.
func NewLoader() *Loader {
	return &Loader{Path: os.Getenv("CONFIG_FILE")}
}

// Load reads configuration from all sources.
func (l *Loader) Load() (*Config, error) {
	cfg := Defaults()

	if l.Path != "" {
		data, err := os.ReadFile(l.Path)
		if err != nil {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config file: %w", err)
		}
	}

	// Layer in a .env file if present; exported variables keep
	// precedence (ignore error in production)
	_ = godotenv.Load()
	applyEnv(cfg)

	if cfg.DatabaseURL == "" {
		return nil, fmt.Errorf("DATABASE_URL is required")
	}
	if cfg.BatchSize < 1 {
		cfg.BatchSize = 1
	}
	return cfg, nil
}

func applyEnv(cfg *Config) {
	envStr(&cfg.DatabaseURL, "DATABASE_URL")
	envStr(&cfg.ListenAddr, "LISTEN_ADDR")
	envInt(&cfg.ShutdownTimeout, "SHUTDOWN_TIMEOUT")
	envStr(&cfg.TimeZone, "TIMEZONE")

	envBool(&cfg.ScheduledRefreshEnabled, "SCHEDULED_REFRESH_ENABLED")
	envStr(&cfg.RefreshCron, "REFRESH_CRON")
	envInt(&cfg.LegacyIntervalMinutes, "LEGACY_REFRESH_INTERVAL_MINUTES")
	envInt(&cfg.BatchSize, "REFRESH_BATCH_SIZE")
	envInt(&cfg.BatchIntervalMinutes, "REFRESH_BATCH_INTERVAL_MINUTES")
	envInt(&cfg.RefreshWindowHours, "REFRESH_WINDOW_HOURS")
	envInt(&cfg.CooldownHours, "REFRESH_COOLDOWN_HOURS")
	envBool(&cfg.DeleteExpiredAccounts, "DELETE_EXPIRED_ACCOUNTS")
	envBool(&cfg.AutoRegisterEnabled, "AUTO_REGISTER_ENABLED")
	envInt(&cfg.MinAccountCount, "MIN_ACCOUNT_COUNT")

	envBool(&cfg.BrowserHeadless, "BROWSER_HEADLESS")
	envStr(&cfg.ProxyForAuth, "PROXY_FOR_AUTH")

	envStr(&cfg.TempMailProvider, "TEMP_MAIL_PROVIDER")
	envStr(&cfg.RegisterDomain, "REGISTER_DOMAIN")

	envStr(&cfg.MicrosoftTenant, "MICROSOFT_TENANT")
	envStr(&cfg.DuckmailBaseURL, "DUCKMAIL_BASE_URL")
	envStr(&cfg.DuckmailAPIKey, "DUCKMAIL_API_KEY")
	envStr(&cfg.MoemailBaseURL, "MOEMAIL_BASE_URL")
	envStr(&cfg.MoemailAPIKey, "MOEMAIL_API_KEY")
	envStr(&cfg.MoemailDomain, "MOEMAIL_DOMAIN")
	envStr(&cfg.FreemailBaseURL, "FREEMAIL_BASE_URL")
	envStr(&cfg.FreemailJWTToken, "FREEMAIL_JWT_TOKEN")
	envStr(&cfg.FreemailDomain, "FREEMAIL_DOMAIN")
	envBool(&cfg.FreemailVerifySSL, "FREEMAIL_VERIFY_SSL")
	envStr(&cfg.GptmailBaseURL, "GPTMAIL_BASE_URL")
	envStr(&cfg.GptmailAPIKey, "GPTMAIL_API_KEY")
	envStr(&cfg.GptmailDomain, "GPTMAIL_DOMAIN")
	envBool(&cfg.GptmailVerifySSL, "GPTMAIL_VERIFY_SSL")
}

func envStr(dst *string, key string) {
	if v := os.Getenv(key); v != "" {
		*dst = v
	}
}

func envInt(dst *int, key string) {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			*dst = n
		}
	}
}

func envBool(dst *bool, key string) {
	if v := os.Getenv(key); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			*dst = b
		}
	}
}

// Location resolves the configured store timezone, falling back to UTC+8
// when the zone database is unavailable.
func (c *Config) Location() *time.Location {
	loc, err := time.LoadLocation(c.TimeZone)
	if err != nil {
		return time.FixedZone("CST", 8*3600)
	}
	return loc
}

// RefreshWindow returns the expiry window as a duration.
func (c *Config) RefreshWindow() time.Duration {
	return time.Duration(c.RefreshWindowHours) * time.Hour
}

// Cooldown returns the per-account cooldown as a duration.
func (c *Config) Cooldown() time.Duration {
	return time.Duration(c.CooldownHours) * time.Hour
}

// BatchInterval returns the inter-batch wait as a duration.
func (c *Config) BatchInterval() time.Duration {
	return time.Duration(c.BatchIntervalMinutes) * time.Minute
}

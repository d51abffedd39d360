package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/v2"
)

// Config holds all application configuration.
type Config struct {
	// VRChat API Connection
	VRChatAPIURL      string        `koanf:"vrchat_api_url"`
	VRChatUsername    string        `koanf:"vrchat_username"`
	VRChatPassword    string        `koanf:"vrchat_password"`
	VRChatAuthCookie  string        `koanf:"vrchat_auth_cookie"`
	VRChatUserAgent   string        `koanf:"vrchat_user_agent"`
	VRChatHTTPTimeout time.Duration `koanf:"vrchat_http_timeout"`
	VRChatAPIDebug    bool          `koanf:"vrchat_api_debug"`

	// Moderated Groups
	Groups []string `koanf:"groups"`

	// Gatekeeper (join-request processing)
	GatekeeperInterval     time.Duration `koanf:"gatekeeper_interval"`
	GatekeeperRequestDelay time.Duration `koanf:"gatekeeper_request_delay"`

	// Instance Guard
	InstanceGuardInterval     time.Duration `koanf:"instance_guard_interval"`
	InstanceGuardRequestDelay time.Duration `koanf:"instance_guard_request_delay"`
	ClosedInstanceTTL         time.Duration `koanf:"closed_instance_ttl"`

	// Permission Guard
	PermissionGuardInterval time.Duration `koanf:"permission_guard_interval"`
	AuditLogWindow          int           `koanf:"audit_log_window"`
	RoleCacheTTL            time.Duration `koanf:"role_cache_ttl"`

	// Rule Engine
	RuleCacheSize   int           `koanf:"rule_cache_size"`
	RuleCacheTTL    time.Duration `koanf:"rule_cache_ttl"`
	DedupMaxEntries int           `koanf:"dedup_max_entries"`

	// API Retry
	RetryMaxAttempts int           `koanf:"retry_max_attempts"`
	RetryBase        time.Duration `koanf:"retry_base"`

	// Session Management
	SessionReauthMinGap  time.Duration `koanf:"session_reauth_min_gap"`
	SessionReauthTimeout time.Duration `koanf:"session_reauth_timeout"`

	// Storage
	DataDir string `koanf:"data_dir"`

	// Operational
	DryRun         bool   `koanf:"dry_run"`
	LogLevel       string `koanf:"log_level"`
	LogFormat      string `koanf:"log_format"`
	MetricsEnabled bool   `koanf:"metrics_enabled"`
	MetricsAddr    string `koanf:"metrics_addr"`
	HealthAddr     string `koanf:"health_addr"`
}

// sanitise removes a single layer of matching surrounding quotes from all string
// fields and string slice elements. This normalises values from Docker --env-file
// which does not strip shell quoting.
func (c *Config) sanitise() {
	c.VRChatAPIURL = stripEnvQuotes(c.VRChatAPIURL)
	c.VRChatUsername = stripEnvQuotes(c.VRChatUsername)
	c.VRChatPassword = stripEnvQuotes(c.VRChatPassword)
	c.VRChatAuthCookie = stripEnvQuotes(c.VRChatAuthCookie)
	c.VRChatUserAgent = stripEnvQuotes(c.VRChatUserAgent)
	c.DataDir = stripEnvQuotes(c.DataDir)
	c.LogLevel = stripEnvQuotes(c.LogLevel)
	c.LogFormat = stripEnvQuotes(c.LogFormat)
	c.MetricsAddr = stripEnvQuotes(c.MetricsAddr)
	c.HealthAddr = stripEnvQuotes(c.HealthAddr)

	for i, s := range c.Groups {
		c.Groups[i] = stripEnvQuotes(s)
	}
}

// defaults sets sensible default values.
func defaults() map[string]interface{} {
	return map[string]interface{}{
		"vrchat_api_url":               "https://api.vrchat.cloud/api/1",
		"vrchat_user_agent":            "groupwarden/dev",
		"vrchat_http_timeout":          "15s",
		"gatekeeper_interval":          "60s",
		"gatekeeper_request_delay":     "500ms",
		"instance_guard_interval":      "30s",
		"instance_guard_request_delay": "250ms",
		"closed_instance_ttl":          "30m",
		"permission_guard_interval":    "15s",
		"audit_log_window":             20,
		"role_cache_ttl":               "5m",
		"rule_cache_size":              100,
		"rule_cache_ttl":               "5m",
		"dedup_max_entries":            1000,
		"retry_max_attempts":           4,
		"retry_base":                   "1s",
		"session_reauth_min_gap":       "5s",
		"session_reauth_timeout":       "10s",
		"data_dir":                     "/data",
		"log_level":                    "info",
		"log_format":                   "json",
		"metrics_enabled":              true,
		"metrics_addr":                 ":9090",
		"health_addr":                  ":8081",
	}
}

// stripEnvQuotes removes a single layer of matching surrounding single or double
// quotes from s. Only symmetric pairs are stripped: 'x' → x, "x" → x.
// Unpaired or mismatched quotes are left as-is.
func stripEnvQuotes(s string) string {
	if len(s) < 2 {
		return s
	}
	if (s[0] == '\'' && s[len(s)-1] == '\'') ||
		(s[0] == '"' && s[len(s)-1] == '"') {
		return s[1 : len(s)-1]
	}
	return s
}

// Load reads configuration from environment variables, applying _FILE secret injection.
func Load() (*Config, error) {
	// Use "." as delimiter so that env vars with "_" in their names are
	// treated as flat keys, not nested paths. E.g. VRCHAT_API_URL →
	// "vrchat_api_url" maps to the koanf struct tag without any nesting.
	k := koanf.New(".")

	defs := defaults()
	if err := k.Load(&rawProvider{data: defs}, nil); err != nil {
		return nil, fmt.Errorf("load defaults: %w", err)
	}

	if err := k.Load(env.Provider("", ".", func(s string) string {
		return strings.ToLower(s)
	}), nil); err != nil {
		return nil, fmt.Errorf("load env: %w", err)
	}

	if err := injectFileSecrets(k); err != nil {
		return nil, fmt.Errorf("inject file secrets: %w", err)
	}

	cfg := &Config{}
	if err := k.UnmarshalWithConf("", cfg, koanf.UnmarshalConf{Tag: "koanf"}); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	// Comma-separated list fields that koanf won't split automatically
	cfg.Groups = splitCSV(k.String("groups"))

	cfg.sanitise()

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks required fields and semantic constraints.
func (c *Config) Validate() error {
	if c.VRChatAuthCookie == "" && (c.VRChatUsername == "" || c.VRChatPassword == "") {
		return fmt.Errorf("either VRCHAT_AUTH_COOKIE or both VRCHAT_USERNAME and VRCHAT_PASSWORD are required")
	}
	if len(c.Groups) == 0 {
		return fmt.Errorf("GROUPS is required (comma-separated VRChat group ids)")
	}
	for _, g := range c.Groups {
		if !strings.HasPrefix(g, "grp_") {
			return fmt.Errorf("GROUPS: %q does not look like a group id (expected grp_ prefix)", g)
		}
	}

	if !strings.HasPrefix(c.VRChatAPIURL, "http://") && !strings.HasPrefix(c.VRChatAPIURL, "https://") {
		return fmt.Errorf("VRCHAT_API_URL must start with http:// or https://; got %q", c.VRChatAPIURL)
	}

	if c.GatekeeperInterval <= 0 {
		return fmt.Errorf("GATEKEEPER_INTERVAL must be > 0; got %s", c.GatekeeperInterval)
	}
	if c.InstanceGuardInterval <= 0 {
		return fmt.Errorf("INSTANCE_GUARD_INTERVAL must be > 0; got %s", c.InstanceGuardInterval)
	}
	if c.PermissionGuardInterval <= 0 {
		return fmt.Errorf("PERMISSION_GUARD_INTERVAL must be > 0; got %s", c.PermissionGuardInterval)
	}

	if c.AuditLogWindow < 1 || c.AuditLogWindow > 100 {
		return fmt.Errorf("AUDIT_LOG_WINDOW must be 1–100; got %d", c.AuditLogWindow)
	}
	if c.RuleCacheSize < 1 {
		return fmt.Errorf("RULE_CACHE_SIZE must be >= 1; got %d", c.RuleCacheSize)
	}
	if c.DedupMaxEntries < 2 {
		return fmt.Errorf("DEDUP_MAX_ENTRIES must be >= 2; got %d", c.DedupMaxEntries)
	}
	if c.RetryMaxAttempts < 1 {
		return fmt.Errorf("RETRY_MAX_ATTEMPTS must be >= 1; got %d", c.RetryMaxAttempts)
	}

	validLogLevels := map[string]bool{
		"trace": true, "debug": true, "info": true,
		"warn": true, "error": true, "fatal": true, "panic": true,
	}
	if !validLogLevels[c.LogLevel] {
		return fmt.Errorf("LOG_LEVEL must be one of trace,debug,info,warn,error,fatal,panic; got %q", c.LogLevel)
	}

	if c.LogFormat != "json" && c.LogFormat != "text" {
		return fmt.Errorf("LOG_FORMAT must be json or text; got %q", c.LogFormat)
	}

	return nil
}

// injectFileSecrets reads _FILE env vars and injects their file contents.
var fileSecretKeys = []string{
	"vrchat_username",
	"vrchat_password",
	"vrchat_auth_cookie",
}

func injectFileSecrets(k *koanf.Koanf) error {
	for _, key := range fileSecretKeys {
		fileKey := key + "_file"
		filePath := k.String(fileKey)
		if filePath == "" {
			// Also check uppercased env var with _FILE suffix
			envKey := strings.ToUpper(key) + "_FILE"
			filePath = os.Getenv(envKey)
		}
		if filePath == "" {
			continue
		}
		filePath = stripEnvQuotes(filePath)
		content, err := os.ReadFile(filePath)
		if err != nil {
			return fmt.Errorf("reading secret file for %s (%s): %w", key, filePath, err)
		}
		val := strings.TrimSpace(string(content))
		if err := k.Set(key, val); err != nil {
			return fmt.Errorf("setting %s from file: %w", key, err)
		}
	}
	return nil
}

func splitCSV(s string) []string {
	if s == "" {
		return nil
	}
	parts := strings.Split(s, ",")
	result := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p != "" {
			result = append(result, p)
		}
	}
	return result
}

// rawProvider implements koanf.Provider for a map[string]interface{}.
type rawProvider struct {
	data map[string]interface{}
}

// Read returns the config map directly (no Parser needed).
func (r *rawProvider) Read() (map[string]interface{}, error) {
	return r.data, nil
}

// ReadBytes is not used by rawProvider; koanf calls Read() when no Parser is given.
func (r *rawProvider) ReadBytes() ([]byte, error) {
	return nil, fmt.Errorf("rawProvider does not support ReadBytes")
}

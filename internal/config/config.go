package config

import (
	"encoding/hex"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"
)

type Config struct {
	Port                string        `mapstructure:"PORT"`
	BindAddr            string        `mapstructure:"BIND_ADDR"`
	AllowRemote         bool          `mapstructure:"ALLOW_REMOTE"`
	Env                 string        `mapstructure:"ENV"`
	CognitoRegion       string        `mapstructure:"COGNITO_REGION"`
	CognitoUserPoolID   string        `mapstructure:"COGNITO_USER_POOL_ID"`
	CognitoClientID     string        `mapstructure:"COGNITO_CLIENT_ID"`
	CognitoClientSecret string        `mapstructure:"COGNITO_CLIENT_SECRET"`
	CognitoEndpoint     string        `mapstructure:"COGNITO_ENDPOINT"`
	JWKSCacheTTL        time.Duration `mapstructure:"JWKS_CACHE_TTL"`
	MFAIssuer           string        `mapstructure:"MFA_ISSUER"`
	StorageURL          string        `mapstructure:"STORAGE_URL"`
	StorageKey          string        `mapstructure:"STORAGE_KEY"`
	StorageKeyPrevious  string        `mapstructure:"STORAGE_KEY_PREVIOUS"`
	BackendURL          string        `mapstructure:"BACKEND_URL"`
	StaticDir           string        `mapstructure:"STATIC_DIR"`
	LoginPath           string        `mapstructure:"LOGIN_PATH"`
	CORSOrigins         []string      `mapstructure:"CORS_ORIGINS"`
	RateLimitRPS        float64       `mapstructure:"RATE_LIMIT_RPS"`
	RateLimitBurst      int           `mapstructure:"RATE_LIMIT_BURST"`
	AuditWebhookURL     string        `mapstructure:"AUDIT_WEBHOOK_URL"`
	AuditWebhookSecret  string        `mapstructure:"AUDIT_WEBHOOK_SECRET"`
	OTLPEndpoint        string        `mapstructure:"OTEL_EXPORTER_OTLP_ENDPOINT"`
	OTLPInsecure        bool          `mapstructure:"OTEL_EXPORTER_OTLP_INSECURE"`
	ServiceName         string        `mapstructure:"OTEL_SERVICE_NAME"`
}

var envKeys = []string{
	"PORT",
	"BIND_ADDR",
	"ALLOW_REMOTE",
	"ENV",
	"COGNITO_REGION",
	"COGNITO_USER_POOL_ID",
	"COGNITO_CLIENT_ID",
	"COGNITO_CLIENT_SECRET",
	"COGNITO_ENDPOINT",
	"JWKS_CACHE_TTL",
	"MFA_ISSUER",
	"STORAGE_URL",
	"STORAGE_KEY",
	"STORAGE_KEY_PREVIOUS",
	"BACKEND_URL",
	"STATIC_DIR",
	"LOGIN_PATH",
	"CORS_ORIGINS",
	"RATE_LIMIT_RPS",
	"RATE_LIMIT_BURST",
	"AUDIT_WEBHOOK_URL",
	"AUDIT_WEBHOOK_SECRET",
	"OTEL_EXPORTER_OTLP_ENDPOINT",
	"OTEL_EXPORTER_OTLP_INSECURE",
	"OTEL_SERVICE_NAME",
}

func Load() (*Config, error) {
	v := viper.New()
	v.SetConfigFile(".env")
	v.AutomaticEnv()

	// Defaults
	v.SetDefault("PORT", "3000")
	v.SetDefault("BIND_ADDR", "127.0.0.1")
	v.SetDefault("ENV", "development")
	v.SetDefault("COGNITO_REGION", "us-east-1")
	v.SetDefault("JWKS_CACHE_TTL", "5m")
	v.SetDefault("MFA_ISSUER", "Clinic Portal")
	v.SetDefault("STORAGE_URL", defaultStorageURL())
	v.SetDefault("LOGIN_PATH", "/login")
	v.SetDefault("CORS_ORIGINS", "http://localhost:5173")
	v.SetDefault("RATE_LIMIT_RPS", 5)
	v.SetDefault("RATE_LIMIT_BURST", 10)
	v.SetDefault("OTEL_SERVICE_NAME", "clinic-portal")

	// Bind env vars explicitly so Unmarshal picks them up
	for _, k := range envKeys {
		_ = v.BindEnv(k)
	}

	// Try reading .env file, but don't fail if missing
	_ = v.ReadInConfig()

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	if cfg.CORSOrigins == nil {
		origins := v.GetString("CORS_ORIGINS")
		if origins != "" {
			cfg.CORSOrigins = strings.Split(origins, ",")
		}
	}

	if cfg.CognitoUserPoolID == "" {
		return nil, fmt.Errorf("COGNITO_USER_POOL_ID is required")
	}
	if cfg.CognitoClientID == "" {
		return nil, fmt.Errorf("COGNITO_CLIENT_ID is required")
	}

	return cfg, nil
}

// defaultStorageURL places durable state under the user's config directory,
// falling back to the working directory when none is available.
func defaultStorageURL() string {
	dir, err := os.UserConfigDir()
	if err != nil {
		return "file://.clinic-portal"
	}
	return "file://" + filepath.Join(dir, "clinic-portal")
}

func (c *Config) IsDev() bool {
	return c.Env == "development"
}

// IsProduction returns true when the portal is configured for production mode.
func (c *Config) IsProduction() bool {
	return c.Env == "production"
}

// Issuer returns the token issuer URL of the configured user pool. A custom
// COGNITO_ENDPOINT (e.g. a local emulator) replaces the AWS host.
func (c *Config) Issuer() string {
	if c.CognitoEndpoint != "" {
		return strings.TrimRight(c.CognitoEndpoint, "/") + "/" + c.CognitoUserPoolID
	}
	return fmt.Sprintf("https://cognito-idp.%s.amazonaws.com/%s", c.CognitoRegion, c.CognitoUserPoolID)
}

// StorageKeyBytes decodes STORAGE_KEY. It returns nil when no key is set.
func (c *Config) StorageKeyBytes() ([]byte, error) {
	if c.StorageKey == "" {
		return nil, nil
	}
	key, err := hex.DecodeString(c.StorageKey)
	if err != nil {
		return nil, fmt.Errorf("STORAGE_KEY is not valid hex: %w", err)
	}
	return key, nil
}

// PreviousStorageKeys decodes the comma-separated STORAGE_KEY_PREVIOUS list
// of retired keys.
func (c *Config) PreviousStorageKeys() ([][]byte, error) {
	var keys [][]byte
	for _, k := range strings.Split(c.StorageKeyPrevious, ",") {
		k = strings.TrimSpace(k)
		if k == "" {
			continue
		}
		key, err := hex.DecodeString(k)
		if err != nil {
			return nil, fmt.Errorf("STORAGE_KEY_PREVIOUS is not valid hex: %w", err)
		}
		if len(key) != 32 {
			return nil, fmt.Errorf("STORAGE_KEY_PREVIOUS entries must be 32 bytes, got %d bytes", len(key))
		}
		keys = append(keys, key)
	}
	return keys, nil
}

// ListenAddr is the address `portal serve` listens on. An empty BindAddr
// means loopback.
func (c *Config) ListenAddr() string {
	host := c.BindAddr
	if host == "" {
		host = "127.0.0.1"
	}
	return net.JoinHostPort(host, c.Port)
}

// isLoopbackHost reports whether host only accepts local connections.
func isLoopbackHost(host string) bool {
	if host == "" || strings.EqualFold(host, "localhost") {
		return true
	}
	ip := net.ParseIP(host)
	return ip != nil && ip.IsLoopback()
}

// Validate checks that the configuration is safe to run. In production the
// provider session cache must be encrypted at rest, so STORAGE_KEY is
// required and must decode to 32 bytes.
func (c *Config) Validate() error {
	if c.CognitoRegion == "" {
		return fmt.Errorf("COGNITO_REGION is required")
	}
	if !c.AllowRemote && !isLoopbackHost(c.BindAddr) {
		return fmt.Errorf("BIND_ADDR %q is not a loopback address: the portal serves one signed-in user, set ALLOW_REMOTE=true to expose it", c.BindAddr)
	}
	if !strings.HasPrefix(c.LoginPath, "/") {
		return fmt.Errorf("LOGIN_PATH must start with \"/\", got %q", c.LoginPath)
	}

	if c.IsProduction() && c.StorageKey == "" {
		return fmt.Errorf("STORAGE_KEY is required in production")
	}
	key, err := c.StorageKeyBytes()
	if err != nil {
		return err
	}
	if key != nil && len(key) != 32 {
		return fmt.Errorf("STORAGE_KEY must be 32 bytes (64 hex chars), got %d bytes", len(key))
	}
	prev, err := c.PreviousStorageKeys()
	if err != nil {
		return err
	}
	if len(prev) > 0 && key == nil {
		return fmt.Errorf("STORAGE_KEY_PREVIOUS requires STORAGE_KEY")
	}

	if c.BackendURL != "" && !strings.HasPrefix(c.BackendURL, "http://") && !strings.HasPrefix(c.BackendURL, "https://") {
		return fmt.Errorf("BACKEND_URL must be an http(s) URL, got %q", c.BackendURL)
	}
	if c.AuditWebhookURL != "" && c.BackendURL == "" {
		return fmt.Errorf("AUDIT_WEBHOOK_URL needs BACKEND_URL: only proxied calls are audited")
	}

	return nil
}

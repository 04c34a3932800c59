package config

import (
	"fmt"
	"log"
	"strings"
	"time"

	"github.com/spf13/viper"
)

type Config struct {
	Port               string        `mapstructure:"PORT"`
	Env                string        `mapstructure:"ENV"`
	DatabaseURL        string        `mapstructure:"DATABASE_URL"`
	DBMaxConns         int32         `mapstructure:"DB_MAX_CONNS"`
	DBMinConns         int32         `mapstructure:"DB_MIN_CONNS"`
	StoreBackend       string        `mapstructure:"STORE_BACKEND"`
	RedisURL           string        `mapstructure:"REDIS_URL"`
	FirebaseProjectID  string        `mapstructure:"FIREBASE_PROJECT_ID"`
	FirebaseCredsFile  string        `mapstructure:"FIREBASE_CREDENTIALS_FILE"`
	AuthIssuer         string        `mapstructure:"AUTH_ISSUER"`
	AuthJWKSURL        string        `mapstructure:"AUTH_JWKS_URL"`
	AuthAudience       string        `mapstructure:"AUTH_AUDIENCE"`
	AuthSigningKey     string        `mapstructure:"AUTH_SIGNING_KEY"`
	CORSOrigins        []string      `mapstructure:"CORS_ORIGINS"`
	BodyLimit          string        `mapstructure:"BODY_LIMIT"`
	RequestTimeout     time.Duration `mapstructure:"REQUEST_TIMEOUT"`
	RateLimitBackend   string        `mapstructure:"RATE_LIMIT_BACKEND"`
	RateLimitAlgorithm string        `mapstructure:"RATE_LIMIT_ALGORITHM"`
	RateLimitMax       int           `mapstructure:"RATE_LIMIT_MAX"`
	RateLimitWindow    time.Duration `mapstructure:"RATE_LIMIT_WINDOW"`
	RateLimitFailOpen  bool          `mapstructure:"RATE_LIMIT_FAIL_OPEN"`
	ShareTTL           time.Duration `mapstructure:"SHARE_TTL"`

	// Admin tooling
	RulesFile             string   `mapstructure:"RULES_FILE"`
	IndexesFile           string   `mapstructure:"INDEXES_FILE"`
	SyncStateDir          string   `mapstructure:"SYNC_STATE_DIR"`
	MergeTool             string   `mapstructure:"MERGE_TOOL"`
	PermissionsCollection string   `mapstructure:"PERMISSIONS_COLLECTION"`
	PermissionRoles       []string `mapstructure:"PERMISSION_ROLES"`
}

var envKeys = []string{
	"PORT", "ENV", "DATABASE_URL", "DB_MAX_CONNS", "DB_MIN_CONNS",
	"STORE_BACKEND", "REDIS_URL", "FIREBASE_PROJECT_ID", "FIREBASE_CREDENTIALS_FILE",
	"AUTH_ISSUER", "AUTH_JWKS_URL", "AUTH_AUDIENCE", "AUTH_SIGNING_KEY",
	"CORS_ORIGINS", "BODY_LIMIT", "REQUEST_TIMEOUT",
	"RATE_LIMIT_BACKEND", "RATE_LIMIT_ALGORITHM", "RATE_LIMIT_MAX", "RATE_LIMIT_WINDOW", "RATE_LIMIT_FAIL_OPEN",
	"SHARE_TTL",
	"RULES_FILE", "INDEXES_FILE", "SYNC_STATE_DIR", "MERGE_TOOL",
	"PERMISSIONS_COLLECTION", "PERMISSION_ROLES",
}

func Load() (*Config, error) {
	v := viper.New()
	v.SetConfigFile(".env")
	v.AutomaticEnv()

	// Defaults
	v.SetDefault("PORT", "8000")
	v.SetDefault("ENV", "development")
	v.SetDefault("DB_MAX_CONNS", 20)
	v.SetDefault("DB_MIN_CONNS", 2)
	v.SetDefault("STORE_BACKEND", "postgres")
	v.SetDefault("CORS_ORIGINS", "http://localhost:3000")
	v.SetDefault("BODY_LIMIT", "1M")
	v.SetDefault("REQUEST_TIMEOUT", "30s")
	v.SetDefault("RATE_LIMIT_BACKEND", "postgres")
	v.SetDefault("RATE_LIMIT_ALGORITHM", "sliding")
	v.SetDefault("RATE_LIMIT_MAX", 100)
	v.SetDefault("RATE_LIMIT_WINDOW", "60s")
	v.SetDefault("RATE_LIMIT_FAIL_OPEN", false)
	v.SetDefault("SHARE_TTL", "72h")
	v.SetDefault("RULES_FILE", "firestore.rules")
	v.SetDefault("INDEXES_FILE", "firestore.indexes.json")
	v.SetDefault("SYNC_STATE_DIR", ".firebase")
	v.SetDefault("MERGE_TOOL", "git")
	v.SetDefault("PERMISSIONS_COLLECTION", "permissions")
	v.SetDefault("PERMISSION_ROLES", "admin,doctor,nurse,receptionist,billing,facility_admin,patient")

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

	// Comma-separated lists arrive as a single string from the environment.
	cfg.CORSOrigins = splitList(cfg.CORSOrigins, v.GetString("CORS_ORIGINS"))
	cfg.PermissionRoles = splitList(cfg.PermissionRoles, v.GetString("PERMISSION_ROLES"))

	if cfg.IsDev() && cfg.AuthSigningKey == "" && cfg.AuthJWKSURL == "" {
		log.Println("WARNING: ENV=development with no AUTH_SIGNING_KEY or AUTH_JWKS_URL;")
		log.Println("WARNING: the /admin API accepts unauthenticated requests as admin.")
	}

	return cfg, nil
}

func splitList(parsed []string, raw string) []string {
	if len(parsed) == 1 && strings.Contains(parsed[0], ",") {
		parsed = nil
	}
	if len(parsed) == 0 && raw != "" {
		parsed = strings.Split(raw, ",")
	}
	out := parsed[:0:0]
	for _, p := range parsed {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}

func (c *Config) IsDev() bool {
	return c.Env == "development"
}

// IsProduction returns true when the server is configured for production mode.
func (c *Config) IsProduction() bool {
	return c.Env == "production"
}

// UsesPostgres reports whether any configured backend needs DATABASE_URL.
func (c *Config) UsesPostgres() bool {
	return c.StoreBackend == "postgres" || c.RateLimitBackend == "postgres"
}

// UsesFirestore reports whether any configured backend needs a Firebase app.
func (c *Config) UsesFirestore() bool {
	return c.StoreBackend == "firestore" || c.RateLimitBackend == "firestore"
}

// Validate checks that the server configuration is consistent before any
// connection is attempted.
func (c *Config) Validate() error {
	switch c.StoreBackend {
	case "postgres", "firestore":
	default:
		return fmt.Errorf("STORE_BACKEND must be \"postgres\" or \"firestore\", got %q", c.StoreBackend)
	}

	switch c.RateLimitBackend {
	case "memory", "postgres", "redis", "firestore":
	default:
		return fmt.Errorf("RATE_LIMIT_BACKEND must be one of memory, postgres, redis, firestore, got %q", c.RateLimitBackend)
	}

	if c.RateLimitAlgorithm != "fixed" && c.RateLimitAlgorithm != "sliding" {
		return fmt.Errorf("RATE_LIMIT_ALGORITHM must be \"fixed\" or \"sliding\", got %q", c.RateLimitAlgorithm)
	}
	if c.RateLimitMax <= 0 {
		return fmt.Errorf("RATE_LIMIT_MAX must be positive, got %d", c.RateLimitMax)
	}
	if c.RateLimitWindow <= 0 {
		return fmt.Errorf("RATE_LIMIT_WINDOW must be positive, got %s", c.RateLimitWindow)
	}

	if c.UsesPostgres() && c.DatabaseURL == "" {
		return fmt.Errorf("DATABASE_URL is required")
	}
	if c.RateLimitBackend == "redis" && c.RedisURL == "" {
		return fmt.Errorf("REDIS_URL is required when RATE_LIMIT_BACKEND is \"redis\"")
	}
	if c.UsesFirestore() && c.FirebaseProjectID == "" {
		return fmt.Errorf("FIREBASE_PROJECT_ID is required for the firestore backend")
	}

	if c.IsProduction() && c.AuthSigningKey == "" && c.AuthJWKSURL == "" {
		return fmt.Errorf("AUTH_JWKS_URL or AUTH_SIGNING_KEY must be set in production")
	}
	if c.RequestTimeout < 0 {
		return fmt.Errorf("REQUEST_TIMEOUT must not be negative, got %s", c.RequestTimeout)
	}
	if c.ShareTTL <= 0 {
		return fmt.Errorf("SHARE_TTL must be positive, got %s", c.ShareTTL)
	}

	return nil
}

// ValidateAdmin checks the settings used by the emr-admin tooling.
func (c *Config) ValidateAdmin() error {
	if c.FirebaseProjectID == "" {
		return fmt.Errorf("FIREBASE_PROJECT_ID is required")
	}
	if c.RulesFile == "" {
		return fmt.Errorf("RULES_FILE must not be empty")
	}
	if c.SyncStateDir == "" {
		return fmt.Errorf("SYNC_STATE_DIR must not be empty")
	}
	return nil
}

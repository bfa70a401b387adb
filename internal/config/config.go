// Package config loads runtime configuration from the environment, an
// optional .env file and an optional dino.yaml/dino.toml file.
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"

	apperrors "github.com/dinovending/dino/backend/internal/errors"
)

// Remote backends.
const (
	BackendPostgREST = "postgrest"
	BackendPostgres  = "postgres"
	BackendMemory    = "memory"
)

// Config holds all runtime configuration values.
type Config struct {
	DBPath string

	RemoteBackend string
	SupabaseURL   string
	SupabaseKey   string
	DatabaseURL   string
	AccessToken   string
	JWTSecret     string

	RequestTimeout time.Duration
	SyncInterval   time.Duration

	RetryMaxAttempts int
	RetryBaseBackoff time.Duration
	RetryMaxBackoff  time.Duration

	ConflictStrategy string

	ConnectivityMode          string
	ConnectivityProbeURL      string
	ConnectivityProbeInterval time.Duration
	ConnectivityFlagFile      string

	ListenAddr string
	LogLevel   string
	LogFile    string
}

// defaults are applied before any source is read.
var defaults = map[string]interface{}{
	"db_path":                     "data/dino.db",
	"remote_backend":              BackendPostgREST,
	"request_timeout":             "15s",
	"sync_interval":               "0s",
	"retry_max_attempts":          0,
	"retry_base_backoff":          "0s",
	"retry_max_backoff":           "5m",
	"conflict_strategy":           "keep_pending",
	"connectivity_mode":           "manual",
	"connectivity_probe_interval": "15s",
	"listen_addr":                 "127.0.0.1:8765",
	"log_level":                   "info",
}

// Load reads configuration. Environment variables win over the config file.
// A missing .env file or config file is not an error; configFile names an
// explicit file that must exist.
func Load(configFile string) (*Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("failed to load .env: %w", err)
	}

	v := viper.New()
	for k, val := range defaults {
		v.SetDefault(k, val)
	}
	v.AutomaticEnv()
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	if configFile != "" {
		v.SetConfigFile(configFile)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("failed to read config file %s: %w", configFile, err)
		}
	} else {
		v.SetConfigName("dino")
		v.AddConfigPath(".")
		if err := v.ReadInConfig(); err != nil {
			var notFound viper.ConfigFileNotFoundError
			if !errors.As(err, &notFound) {
				return nil, fmt.Errorf("failed to read config file: %w", err)
			}
		}
	}

	return fromViper(v), nil
}

func fromViper(v *viper.Viper) *Config {
	return &Config{
		DBPath:                    v.GetString("db_path"),
		RemoteBackend:             strings.ToLower(v.GetString("remote_backend")),
		SupabaseURL:               v.GetString("supabase_url"),
		SupabaseKey:               v.GetString("supabase_key"),
		DatabaseURL:               v.GetString("database_url"),
		AccessToken:               v.GetString("access_token"),
		JWTSecret:                 v.GetString("jwt_secret"),
		RequestTimeout:            v.GetDuration("request_timeout"),
		SyncInterval:              v.GetDuration("sync_interval"),
		RetryMaxAttempts:          v.GetInt("retry_max_attempts"),
		RetryBaseBackoff:          v.GetDuration("retry_base_backoff"),
		RetryMaxBackoff:           v.GetDuration("retry_max_backoff"),
		ConflictStrategy:          v.GetString("conflict_strategy"),
		ConnectivityMode:          strings.ToLower(v.GetString("connectivity_mode")),
		ConnectivityProbeURL:      v.GetString("connectivity_probe_url"),
		ConnectivityProbeInterval: v.GetDuration("connectivity_probe_interval"),
		ConnectivityFlagFile:      v.GetString("connectivity_flag_file"),
		ListenAddr:                v.GetString("listen_addr"),
		LogLevel:                  v.GetString("log_level"),
		LogFile:                   v.GetString("log_file"),
	}
}

// Validate checks that the selected components have what they need.
func (c *Config) Validate() error {
	switch c.RemoteBackend {
	case BackendPostgREST:
		if c.SupabaseURL == "" || c.SupabaseKey == "" {
			return apperrors.New(apperrors.ErrSyncNotConfigured, "SUPABASE_URL and SUPABASE_KEY are required for the postgrest backend")
		}
	case BackendPostgres:
		if c.DatabaseURL == "" {
			return apperrors.New(apperrors.ErrSyncNotConfigured, "DATABASE_URL is required for the postgres backend")
		}
	case BackendMemory:
	default:
		return apperrors.New(apperrors.ErrSyncNotConfigured, fmt.Sprintf("unknown REMOTE_BACKEND %q", c.RemoteBackend))
	}

	switch c.ConnectivityMode {
	case "manual":
	case "probe":
		if c.ConnectivityProbeURL == "" && c.SupabaseURL == "" {
			return apperrors.New(apperrors.ErrValidation, "CONNECTIVITY_PROBE_URL is required for probe mode")
		}
	case "file":
		if c.ConnectivityFlagFile == "" {
			return apperrors.New(apperrors.ErrValidation, "CONNECTIVITY_FLAG_FILE is required for file mode")
		}
	default:
		return apperrors.New(apperrors.ErrValidation, fmt.Sprintf("unknown CONNECTIVITY_MODE %q", c.ConnectivityMode))
	}

	if c.RetryMaxAttempts < 0 {
		return apperrors.New(apperrors.ErrValidation, "RETRY_MAX_ATTEMPTS must not be negative")
	}
	if c.RetryBaseBackoff < 0 || c.RetryMaxBackoff < 0 || c.RequestTimeout < 0 || c.SyncInterval < 0 {
		return apperrors.New(apperrors.ErrValidation, "durations must not be negative")
	}
	if c.DBPath == "" {
		return apperrors.New(apperrors.ErrValidation, "DB_PATH is required")
	}
	return nil
}

// ProbeURL returns the URL the probe connectivity mode requests.
func (c *Config) ProbeURL() string {
	if c.ConnectivityProbeURL != "" {
		return c.ConnectivityProbeURL
	}
	return strings.TrimSuffix(c.SupabaseURL, "/") + "/rest/v1/"
}

package config

import (
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

const (
	envPrefix              = "WATCHLIST"
	defaultHTTPAddress     = "127.0.0.1:8787"
	defaultDatabasePath    = "watchlist.db"
	defaultBackupDir       = "backups"
	defaultLogLevel        = "info"
	defaultRequestTimeout  = 15 * time.Second
	defaultSyncInterval    = time.Minute
	defaultFreshnessWindow = 5 * time.Minute
	defaultMaxRetries      = 3
	defaultBackoffBase     = 2 * time.Second
	defaultBackoffCeiling  = 5 * time.Minute
	defaultPingInterval    = 30 * time.Second
	defaultLogMaxSizeMB    = 20
	defaultLogMaxBackups   = 5
	defaultBackupRetention = 14
)

// AppConfig captures runtime configuration for the sync client.
type AppConfig struct {
	BackendURL      string
	AuthToken       string
	AuthTokenFile   string
	DeviceID        string
	DatabasePath    string
	BackupDir       string
	BackupRetention int
	HTTPAddress     string
	HTTPAPIKey      string
	AllowedOrigins  []string
	LogLevel        string
	LogFile         string
	LogMaxSizeMB    int
	LogMaxBackups   int
	RequestTimeout  time.Duration
	SyncInterval    time.Duration
	FreshnessWindow time.Duration
	MaxRetries      int
	BackoffBase     time.Duration
	BackoffCeiling  time.Duration
	Realtime        bool
	PingInterval    time.Duration
}

// LoadEnvFiles copies values from .env files into the process environment before viper reads it.
// Variables already set win. Missing files are ignored.
func LoadEnvFiles(paths ...string) {
	if len(paths) == 0 {
		_ = godotenv.Load()
		return
	}
	for _, path := range paths {
		_ = godotenv.Load(path)
	}
}

// NewViper returns a viper instance with defaults and env bindings configured.
func NewViper() *viper.Viper {
	configViper := viper.New()
	ApplyDefaults(configViper)
	return configViper
}

// ApplyDefaults configures defaults and env bindings on the provided viper instance.
func ApplyDefaults(configViper *viper.Viper) {
	configViper.SetEnvPrefix(envPrefix)
	configViper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	configViper.AutomaticEnv()

	configViper.SetDefault("backend.url", "")
	configViper.SetDefault("auth.token", "")
	configViper.SetDefault("auth.token_file", "")
	configViper.SetDefault("device.id", "")
	configViper.SetDefault("database.path", defaultDatabasePath)
	configViper.SetDefault("backup.dir", defaultBackupDir)
	configViper.SetDefault("backup.retention_days", defaultBackupRetention)
	configViper.SetDefault("http.address", defaultHTTPAddress)
	configViper.SetDefault("http.api_key", "")
	configViper.SetDefault("http.allowed_origins", []string{})
	configViper.SetDefault("log.level", defaultLogLevel)
	configViper.SetDefault("log.file", "")
	configViper.SetDefault("log.max_size_mb", defaultLogMaxSizeMB)
	configViper.SetDefault("log.max_backups", defaultLogMaxBackups)
	configViper.SetDefault("sync.request_timeout", defaultRequestTimeout)
	configViper.SetDefault("sync.interval", defaultSyncInterval)
	configViper.SetDefault("sync.freshness_window", defaultFreshnessWindow)
	configViper.SetDefault("sync.max_retries", defaultMaxRetries)
	configViper.SetDefault("sync.backoff_base", defaultBackoffBase)
	configViper.SetDefault("sync.backoff_ceiling", defaultBackoffCeiling)
	configViper.SetDefault("realtime.enabled", true)
	configViper.SetDefault("realtime.ping_interval", defaultPingInterval)
}

// Load parses runtime configuration from viper.
func Load(configViper *viper.Viper) (AppConfig, error) {
	cfg := AppConfig{
		BackendURL:      strings.TrimRight(strings.TrimSpace(configViper.GetString("backend.url")), "/"),
		AuthToken:       configViper.GetString("auth.token"),
		AuthTokenFile:   configViper.GetString("auth.token_file"),
		DeviceID:        configViper.GetString("device.id"),
		DatabasePath:    configViper.GetString("database.path"),
		BackupDir:       configViper.GetString("backup.dir"),
		BackupRetention: configViper.GetInt("backup.retention_days"),
		HTTPAddress:     configViper.GetString("http.address"),
		HTTPAPIKey:      configViper.GetString("http.api_key"),
		AllowedOrigins:  splitList(configViper.GetStringSlice("http.allowed_origins")),
		LogLevel:        configViper.GetString("log.level"),
		LogFile:         configViper.GetString("log.file"),
		LogMaxSizeMB:    configViper.GetInt("log.max_size_mb"),
		LogMaxBackups:   configViper.GetInt("log.max_backups"),
		RequestTimeout:  configViper.GetDuration("sync.request_timeout"),
		SyncInterval:    configViper.GetDuration("sync.interval"),
		FreshnessWindow: configViper.GetDuration("sync.freshness_window"),
		MaxRetries:      configViper.GetInt("sync.max_retries"),
		BackoffBase:     configViper.GetDuration("sync.backoff_base"),
		BackoffCeiling:  configViper.GetDuration("sync.backoff_ceiling"),
		Realtime:        configViper.GetBool("realtime.enabled"),
		PingInterval:    configViper.GetDuration("realtime.ping_interval"),
	}

	if err := cfg.validate(); err != nil {
		return AppConfig{}, err
	}

	return cfg, nil
}

func (c AppConfig) validate() error {
	if c.BackendURL == "" {
		return fmt.Errorf("backend.url is required")
	}
	if parsed, err := url.Parse(c.BackendURL); err != nil || parsed.Scheme == "" || parsed.Host == "" {
		return fmt.Errorf("backend.url must be an absolute url")
	}
	if strings.TrimSpace(c.AuthToken) == "" && strings.TrimSpace(c.AuthTokenFile) == "" {
		return fmt.Errorf("auth.token or auth.token_file is required")
	}
	if strings.TrimSpace(c.DatabasePath) == "" {
		return fmt.Errorf("database.path is required")
	}
	if c.RequestTimeout <= 0 {
		return fmt.Errorf("sync.request_timeout must be positive")
	}
	if c.MaxRetries < 0 {
		return fmt.Errorf("sync.max_retries must not be negative")
	}
	if c.BackoffBase <= 0 || c.BackoffCeiling < c.BackoffBase {
		return fmt.Errorf("sync.backoff_ceiling must be at least sync.backoff_base")
	}
	return nil
}

// viper hands env values over as a single comma separated string.
func splitList(values []string) []string {
	result := make([]string, 0, len(values))
	for _, value := range values {
		for _, part := range strings.Split(value, ",") {
			if trimmed := strings.TrimSpace(part); trimmed != "" {
				result = append(result, trimmed)
			}
		}
	}
	return result
}

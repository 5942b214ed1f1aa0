package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

const (
	envPrefix              = "PACTUM"
	defaultHTTPAddress     = "0.0.0.0:8080"
	defaultDatabaseDriver  = DatabaseDriverSQLite
	defaultDatabasePath    = "pactum.db"
	defaultLogLevel        = "info"
	defaultCookieName      = "app_session"
	defaultIssuer          = "pactum-identity"
	defaultTicketTTL       = 60
	defaultPeerBuffer      = 64
	defaultCheckpointEvery = 200
	defaultTracingExporter = "none"
)

// Supported database drivers.
const (
	DatabaseDriverSQLite   = "sqlite"
	DatabaseDriverPostgres = "postgres"
)

// AppConfig captures runtime configuration for the API server.
type AppConfig struct {
	HTTPAddress     string
	AllowedOrigins  []string
	DatabaseDriver  string
	DatabasePath    string
	DatabaseDSN     string
	LogLevel        string
	SigningSecret   string
	SessionIssuer   string
	SessionCookie   string
	TicketTTL       time.Duration
	PeerBuffer      int
	CheckpointEvery int
	TracingExporter string
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

	configViper.SetDefault("http.address", defaultHTTPAddress)
	configViper.SetDefault("http.allowed_origins", []string{"*"})
	configViper.SetDefault("database.driver", defaultDatabaseDriver)
	configViper.SetDefault("database.path", defaultDatabasePath)
	configViper.SetDefault("log.level", defaultLogLevel)
	configViper.SetDefault("auth.issuer", defaultIssuer)
	configViper.SetDefault("auth.cookie_name", defaultCookieName)
	configViper.SetDefault("realtime.ticket_ttl_seconds", defaultTicketTTL)
	configViper.SetDefault("realtime.peer_buffer", defaultPeerBuffer)
	configViper.SetDefault("realtime.checkpoint_every", defaultCheckpointEvery)
	configViper.SetDefault("tracing.exporter", defaultTracingExporter)
}

// Load parses runtime configuration from viper.
func Load(configViper *viper.Viper) (AppConfig, error) {
	cfg := AppConfig{
		HTTPAddress:     configViper.GetString("http.address"),
		AllowedOrigins:  splitOrigins(configViper.GetStringSlice("http.allowed_origins")),
		DatabaseDriver:  strings.ToLower(strings.TrimSpace(configViper.GetString("database.driver"))),
		DatabasePath:    configViper.GetString("database.path"),
		DatabaseDSN:     configViper.GetString("database.dsn"),
		LogLevel:        configViper.GetString("log.level"),
		SigningSecret:   configViper.GetString("auth.signing_secret"),
		SessionIssuer:   configViper.GetString("auth.issuer"),
		SessionCookie:   configViper.GetString("auth.cookie_name"),
		TicketTTL:       time.Duration(configViper.GetInt("realtime.ticket_ttl_seconds")) * time.Second,
		PeerBuffer:      configViper.GetInt("realtime.peer_buffer"),
		CheckpointEvery: configViper.GetInt("realtime.checkpoint_every"),
		TracingExporter: strings.ToLower(strings.TrimSpace(configViper.GetString("tracing.exporter"))),
	}

	if err := cfg.validate(); err != nil {
		return AppConfig{}, err
	}

	return cfg, nil
}

// splitOrigins accepts both list values and the comma separated form environment variables carry.
func splitOrigins(values []string) []string {
	var origins []string
	for _, value := range values {
		for _, origin := range strings.Split(value, ",") {
			if trimmed := strings.TrimSpace(origin); trimmed != "" {
				origins = append(origins, trimmed)
			}
		}
	}
	return origins
}

func (c AppConfig) validate() error {
	if strings.TrimSpace(c.SigningSecret) == "" {
		return fmt.Errorf("auth.signing_secret is required")
	}
	if strings.TrimSpace(c.SessionIssuer) == "" {
		return fmt.Errorf("auth.issuer is required")
	}
	if strings.TrimSpace(c.SessionCookie) == "" {
		return fmt.Errorf("auth.cookie_name is required")
	}
	switch c.DatabaseDriver {
	case DatabaseDriverSQLite:
		if strings.TrimSpace(c.DatabasePath) == "" {
			return fmt.Errorf("database.path is required")
		}
	case DatabaseDriverPostgres:
		if strings.TrimSpace(c.DatabaseDSN) == "" {
			return fmt.Errorf("database.dsn is required for postgres")
		}
	default:
		return fmt.Errorf("unsupported database.driver %q", c.DatabaseDriver)
	}
	if c.TicketTTL <= 0 {
		return fmt.Errorf("realtime.ticket_ttl_seconds must be positive")
	}
	if c.PeerBuffer <= 0 {
		return fmt.Errorf("realtime.peer_buffer must be positive")
	}
	if c.CheckpointEvery <= 0 {
		return fmt.Errorf("realtime.checkpoint_every must be positive")
	}
	switch c.TracingExporter {
	case "none", "stdout":
	default:
		return fmt.Errorf("unsupported tracing.exporter %q", c.TracingExporter)
	}
	return nil
}

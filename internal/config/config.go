// Package config provides application configuration management using Viper.
// It supports loading from environment variables, config files, and defaults.
package config

import (
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// EnvPrefix prefixes every environment variable, e.g. CALLCORE_SERVER_PORT.
const EnvPrefix = "CALLCORE"

// Config holds all application configuration.
type Config struct {
	Server    ServerConfig
	Database  DatabaseConfig
	Log       LogConfig
	RateLimit RateLimitConfig
	API       APIConfig
	Limits    LimitsConfig
	Focus     FocusConfig
	Watchdog  WatchdogConfig
	Pipeline  PipelineConfig
	Emergency EmergencyConfig
	Accounts  AccountsConfig
	Loopback  LoopbackConfig
	Tracing   TracingConfig
	Shutdown  ShutdownConfig
}

// ServerConfig holds HTTP server settings.
type ServerConfig struct {
	Host        string
	Port        int
	Environment string
}

// DatabaseConfig holds PostgreSQL connection settings. The call log is only
// persisted when Enabled is set.
type DatabaseConfig struct {
	Enabled               bool
	Host                  string
	Port                  int
	User                  string
	Password              string
	Name                  string
	SSLMode               string
	MaxConnections        int
	MaxIdleConnections    int
	ConnectionMaxLifetime time.Duration
	SlowQueryThreshold    time.Duration
}

// ConnectionString returns a PostgreSQL connection string.
func (d *DatabaseConfig) ConnectionString() string {
	return fmt.Sprintf(
		"postgres://%s:%s@%s:%d/%s?sslmode=%s",
		d.User, d.Password, d.Host, d.Port, d.Name, d.SSLMode,
	)
}

// LogConfig holds logging settings.
type LogConfig struct {
	Level  string
	Format string
}

// RateLimitConfig holds control API rate limiting settings.
type RateLimitConfig struct {
	Requests int
	Window   time.Duration
}

// APIConfig guards the control API. TokenHash is a bcrypt hash of the bearer
// token; an empty hash leaves the API open, which only development allows.
type APIConfig struct {
	TokenHash    string
	MaxBodyBytes int64
}

// LimitsConfig caps the calls the manager admits.
type LimitsConfig struct {
	Live        int
	Hold        int
	Ringing     int
	Dialing     int
	Outgoing    int
	TopLevel    int
	SelfManaged int
}

// FocusConfig tunes connection service focus arbitration.
type FocusConfig struct {
	ReleaseTimeout time.Duration
}

// WatchdogConfig holds the stuck-call timeouts. Transitory states are NEW,
// CONNECTING, DISCONNECTING and friends; intermediate states are DIALING and
// RINGING.
type WatchdogConfig struct {
	Transitory                time.Duration
	TransitoryVoIP            time.Duration
	TransitoryEmergency       time.Duration
	TransitoryVoIPEmergency   time.Duration
	Intermediate              time.Duration
	IntermediateVoIP          time.Duration
	IntermediateEmergency     time.Duration
	IntermediateVoIPEmergency time.Duration
}

// PipelineConfig tunes call setup.
type PipelineConfig struct {
	SuggestionTimeout      time.Duration
	ContactTimeout         time.Duration
	FilterTimeout          time.Duration
	ConfirmationTimeout    time.Duration
	ReuseWindow            time.Duration
	ReuseBufferSize        int
	SilenceInsteadOfReject bool
	SingleActiveSIM        bool
}

// EmergencyConfig holds emergency call settings.
type EmergencyConfig struct {
	Numbers        []string
	CallbackWindow time.Duration
}

// AccountsConfig lists the phone accounts registered at startup.
type AccountsConfig struct {
	SIMs []string
	// TransactionalPackage, when set, registers an app account whose calls
	// run through the transactional wrapper.
	TransactionalPackage string
	TransactionTimeout   time.Duration
}

// LoopbackConfig tunes the in-process connection service.
type LoopbackConfig struct {
	ConnectDelay time.Duration
	AnswerDelay  time.Duration
}

// TracingConfig exports pipeline spans over OTLP/gRPC. An empty Endpoint
// keeps the no-op tracer.
type TracingConfig struct {
	Endpoint    string
	Insecure    bool
	SampleRatio float64
}

// ShutdownConfig bounds graceful shutdown.
type ShutdownConfig struct {
	Timeout    time.Duration
	DrainDelay time.Duration
}

// Load reads configuration from environment variables and config files.
// Environment variables take precedence over config file values.
func Load() (*Config, error) {
	v := viper.New()

	v.SetConfigName("callcore")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")
	v.AddConfigPath("./config")
	v.AddConfigPath("/etc/callcore")

	v.SetEnvPrefix(EnvPrefix)
	v.AutomaticEnv()
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	setDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		var configNotFoundErr viper.ConfigFileNotFoundError
		if !errors.As(err, &configNotFoundErr) {
			return nil, fmt.Errorf("error reading config file: %w", err)
		}
	}

	cfg := fromViper(v)
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func fromViper(v *viper.Viper) *Config {
	return &Config{
		Server: ServerConfig{
			Host:        v.GetString("server.host"),
			Port:        v.GetInt("server.port"),
			Environment: v.GetString("server.env"),
		},
		Database: DatabaseConfig{
			Enabled:               v.GetBool("database.enabled"),
			Host:                  v.GetString("database.host"),
			Port:                  v.GetInt("database.port"),
			User:                  v.GetString("database.user"),
			Password:              v.GetString("database.password"),
			Name:                  v.GetString("database.name"),
			SSLMode:               v.GetString("database.sslmode"),
			MaxConnections:        v.GetInt("database.max_connections"),
			MaxIdleConnections:    v.GetInt("database.max_idle_connections"),
			ConnectionMaxLifetime: v.GetDuration("database.connection_max_lifetime"),
			SlowQueryThreshold:    v.GetDuration("database.slow_query_threshold"),
		},
		Log: LogConfig{
			Level:  v.GetString("log.level"),
			Format: v.GetString("log.format"),
		},
		RateLimit: RateLimitConfig{
			Requests: v.GetInt("rate_limit.requests"),
			Window:   v.GetDuration("rate_limit.window"),
		},
		API: APIConfig{
			TokenHash:    v.GetString("api.token_hash"),
			MaxBodyBytes: v.GetInt64("api.max_body_bytes"),
		},
		Limits: LimitsConfig{
			Live:        v.GetInt("limits.live"),
			Hold:        v.GetInt("limits.hold"),
			Ringing:     v.GetInt("limits.ringing"),
			Dialing:     v.GetInt("limits.dialing"),
			Outgoing:    v.GetInt("limits.outgoing"),
			TopLevel:    v.GetInt("limits.top_level"),
			SelfManaged: v.GetInt("limits.self_managed"),
		},
		Focus: FocusConfig{
			ReleaseTimeout: v.GetDuration("focus.release_timeout"),
		},
		Watchdog: WatchdogConfig{
			Transitory:                v.GetDuration("watchdog.transitory"),
			TransitoryVoIP:            v.GetDuration("watchdog.transitory_voip"),
			TransitoryEmergency:       v.GetDuration("watchdog.transitory_emergency"),
			TransitoryVoIPEmergency:   v.GetDuration("watchdog.transitory_voip_emergency"),
			Intermediate:              v.GetDuration("watchdog.intermediate"),
			IntermediateVoIP:          v.GetDuration("watchdog.intermediate_voip"),
			IntermediateEmergency:     v.GetDuration("watchdog.intermediate_emergency"),
			IntermediateVoIPEmergency: v.GetDuration("watchdog.intermediate_voip_emergency"),
		},
		Pipeline: PipelineConfig{
			SuggestionTimeout:      v.GetDuration("pipeline.suggestion_timeout"),
			ContactTimeout:         v.GetDuration("pipeline.contact_timeout"),
			FilterTimeout:          v.GetDuration("pipeline.filter_timeout"),
			ConfirmationTimeout:    v.GetDuration("pipeline.confirmation_timeout"),
			ReuseWindow:            v.GetDuration("pipeline.reuse_window"),
			ReuseBufferSize:        v.GetInt("pipeline.reuse_buffer_size"),
			SilenceInsteadOfReject: v.GetBool("pipeline.silence_instead_of_reject"),
			SingleActiveSIM:        v.GetBool("pipeline.single_active_sim"),
		},
		Emergency: EmergencyConfig{
			Numbers:        v.GetStringSlice("emergency.numbers"),
			CallbackWindow: v.GetDuration("emergency.callback_window"),
		},
		Accounts: AccountsConfig{
			SIMs:                 v.GetStringSlice("accounts.sims"),
			TransactionalPackage: v.GetString("accounts.transactional_package"),
			TransactionTimeout:   v.GetDuration("accounts.transaction_timeout"),
		},
		Loopback: LoopbackConfig{
			ConnectDelay: v.GetDuration("loopback.connect_delay"),
			AnswerDelay:  v.GetDuration("loopback.answer_delay"),
		},
		Tracing: TracingConfig{
			Endpoint:    v.GetString("tracing.endpoint"),
			Insecure:    v.GetBool("tracing.insecure"),
			SampleRatio: v.GetFloat64("tracing.sample_ratio"),
		},
		Shutdown: ShutdownConfig{
			Timeout:    v.GetDuration("shutdown.timeout"),
			DrainDelay: v.GetDuration("shutdown.drain_delay"),
		},
	}
}

// setDefaults configures default values for all settings.
func setDefaults(v *viper.Viper) {
	v.SetDefault("server.host", "0.0.0.0")
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.env", "development")

	v.SetDefault("database.enabled", false)
	v.SetDefault("database.host", "localhost")
	v.SetDefault("database.port", 5432)
	v.SetDefault("database.user", "callcore")
	v.SetDefault("database.name", "callcore")
	v.SetDefault("database.sslmode", "disable")
	v.SetDefault("database.max_connections", 10)
	v.SetDefault("database.max_idle_connections", 2)
	v.SetDefault("database.connection_max_lifetime", "5m")
	v.SetDefault("database.slow_query_threshold", "100ms")

	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "json")

	v.SetDefault("rate_limit.requests", 100)
	v.SetDefault("rate_limit.window", "1m")

	v.SetDefault("api.max_body_bytes", 64*1024)

	v.SetDefault("limits.live", 1)
	v.SetDefault("limits.hold", 1)
	v.SetDefault("limits.ringing", 1)
	v.SetDefault("limits.dialing", 1)
	v.SetDefault("limits.outgoing", 1)
	v.SetDefault("limits.top_level", 2)
	v.SetDefault("limits.self_managed", 10)

	v.SetDefault("focus.release_timeout", "5s")

	v.SetDefault("watchdog.transitory", "10s")
	v.SetDefault("watchdog.transitory_voip", "5s")
	v.SetDefault("watchdog.transitory_emergency", "10s")
	v.SetDefault("watchdog.transitory_voip_emergency", "5s")
	v.SetDefault("watchdog.intermediate", "120s")
	v.SetDefault("watchdog.intermediate_voip", "60s")
	v.SetDefault("watchdog.intermediate_emergency", "180s")
	v.SetDefault("watchdog.intermediate_voip_emergency", "60s")

	v.SetDefault("pipeline.suggestion_timeout", "5s")
	v.SetDefault("pipeline.contact_timeout", "0s")
	v.SetDefault("pipeline.filter_timeout", "5s")
	v.SetDefault("pipeline.confirmation_timeout", "1m")
	v.SetDefault("pipeline.reuse_window", "5s")
	v.SetDefault("pipeline.reuse_buffer_size", 8)
	v.SetDefault("pipeline.silence_instead_of_reject", false)
	v.SetDefault("pipeline.single_active_sim", true)

	v.SetDefault("emergency.numbers", []string{"911", "112"})
	v.SetDefault("emergency.callback_window", "5m")

	v.SetDefault("accounts.sims", []string{"sim1"})
	v.SetDefault("accounts.transaction_timeout", "5s")

	v.SetDefault("loopback.connect_delay", "200ms")
	v.SetDefault("loopback.answer_delay", "2s")

	v.SetDefault("tracing.insecure", false)
	v.SetDefault("tracing.sample_ratio", 1.0)

	v.SetDefault("shutdown.timeout", "30s")
	v.SetDefault("shutdown.drain_delay", "2s")
}

// Validate checks required values and ranges.
func (c *Config) Validate() error {
	var problems []string

	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		problems = append(problems, "server.port must be 1-65535")
	}
	if c.Database.Enabled && c.Database.Password == "" {
		problems = append(problems, "CALLCORE_DATABASE_PASSWORD is required when the database is enabled")
	}
	if c.IsProduction() && c.API.TokenHash == "" {
		problems = append(problems, "CALLCORE_API_TOKEN_HASH is required in production")
	}

	limits := map[string]int{
		"limits.live":         c.Limits.Live,
		"limits.hold":         c.Limits.Hold,
		"limits.ringing":      c.Limits.Ringing,
		"limits.dialing":      c.Limits.Dialing,
		"limits.outgoing":     c.Limits.Outgoing,
		"limits.top_level":    c.Limits.TopLevel,
		"limits.self_managed": c.Limits.SelfManaged,
	}
	for _, key := range sortedKeys(limits) {
		if limits[key] < 1 {
			problems = append(problems, key+" must be at least 1")
		}
	}

	if c.Focus.ReleaseTimeout <= 0 {
		problems = append(problems, "focus.release_timeout must be positive")
	}
	w := c.Watchdog
	for _, d := range []time.Duration{
		w.Transitory, w.TransitoryVoIP, w.TransitoryEmergency, w.TransitoryVoIPEmergency,
		w.Intermediate, w.IntermediateVoIP, w.IntermediateEmergency, w.IntermediateVoIPEmergency,
	} {
		if d <= 0 {
			problems = append(problems, "watchdog timeouts must be positive")
			break
		}
	}
	if c.Pipeline.ContactTimeout < 0 || c.Pipeline.ConfirmationTimeout < 0 {
		problems = append(problems, "pipeline timeouts must not be negative")
	}
	if c.Pipeline.ReuseBufferSize < 1 {
		problems = append(problems, "pipeline.reuse_buffer_size must be at least 1")
	}
	if c.Tracing.SampleRatio < 0 || c.Tracing.SampleRatio > 1 {
		problems = append(problems, "tracing.sample_ratio must be between 0 and 1")
	}
	if len(c.Accounts.SIMs) == 0 && c.Accounts.TransactionalPackage == "" {
		problems = append(problems, "at least one phone account must be configured")
	}

	if len(problems) > 0 {
		return fmt.Errorf("invalid configuration: %s", strings.Join(problems, "; "))
	}
	return nil
}

func sortedKeys(m map[string]int) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// IsDevelopment returns true if running in development mode.
func (c *Config) IsDevelopment() bool {
	return c.Server.Environment == "development"
}

// IsProduction returns true if running in production mode.
func (c *Config) IsProduction() bool {
	return c.Server.Environment == "production"
}

// Package config provides configuration management for the session
// router, loaded from environment variables, an optional config file,
// and defaults via spf13/viper.
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config holds all configuration sections for the session router.
type Config struct {
	Server       ServerConfig       `mapstructure:"server"`
	Redis        RedisConfig        `mapstructure:"redis"`
	Database     DatabaseConfig     `mapstructure:"database"`
	NATS         NATSConfig         `mapstructure:"nats"`
	AgentRuntime AgentRuntimeConfig `mapstructure:"agentRuntime"`
	Pool         PoolConfig         `mapstructure:"pool"`
	Channels     ChannelsConfig     `mapstructure:"channels"`
	Audit        AuditConfig        `mapstructure:"audit"`
	Identity     IdentityConfig     `mapstructure:"identity"`
	Admin        AdminConfig        `mapstructure:"admin"`
	MCP          MCPConfig          `mapstructure:"mcp"`
	Tracing      TracingConfig      `mapstructure:"tracing"`
	Logging      LoggingConfig      `mapstructure:"logging"`
}

// ServerConfig holds the admin/webhook HTTP server configuration.
type ServerConfig struct {
	Host         string `mapstructure:"host"`
	Port         int    `mapstructure:"port"`
	ReadTimeout  int    `mapstructure:"readTimeout"`  // seconds
	WriteTimeout int    `mapstructure:"writeTimeout"` // seconds
}

// RedisConfig holds the primary session-store backend configuration.
type RedisConfig struct {
	Addr        string `mapstructure:"addr"`
	Password    string `mapstructure:"password"`
	DB          int    `mapstructure:"db"`
	DialTimeout int    `mapstructure:"dialTimeout"` // seconds
}

// DatabaseConfig holds the queryable audit-mirror database configuration.
// Core session state never lives here — see internal/session.Store.
type DatabaseConfig struct {
	Driver   string `mapstructure:"driver"`
	Path     string `mapstructure:"path"`
	Host     string `mapstructure:"host"`
	Port     int    `mapstructure:"port"`
	User     string `mapstructure:"user"`
	Password string `mapstructure:"password"`
	DBName   string `mapstructure:"dbName"`
	SSLMode  string `mapstructure:"sslMode"`
	MaxConns int    `mapstructure:"maxConns"`
	MinConns int    `mapstructure:"minConns"`
}

// NATSConfig holds event-bus configuration; an empty URL selects the
// in-memory bus implementation instead.
type NATSConfig struct {
	URL           string `mapstructure:"url"`
	ClusterID     string `mapstructure:"clusterId"`
	ClientID      string `mapstructure:"clientId"`
	MaxReconnects int    `mapstructure:"maxReconnects"`
}

// AgentRuntimeConfig holds the remote agent runtime's HTTP connection
// details, used to build internal/agentruntime.Client instances.
type AgentRuntimeConfig struct {
	BaseURL           string `mapstructure:"baseUrl"`
	AuthToken         string `mapstructure:"authToken"`
	RequestTimeout    int    `mapstructure:"requestTimeout"`    // seconds
	BreakerMaxFails   int    `mapstructure:"breakerMaxFails"`
	BreakerOpenPeriod int    `mapstructure:"breakerOpenPeriod"` // seconds

	// Transport is "http" (default) or "subprocess"; Command/Args name the
	// child binary when it is "subprocess".
	Transport string   `mapstructure:"transport"`
	Command   string   `mapstructure:"command"`
	Args      []string `mapstructure:"args"`
}

// PoolConfig holds the agent-client pool's concurrency bound.
type PoolConfig struct {
	MaxConcurrency int64 `mapstructure:"maxConcurrency"`
	MaxWaitSeconds int   `mapstructure:"maxWaitSeconds"`
}

// ChannelsConfig groups per-adapter configuration; each adapter decides
// for itself whether it is configured (spec §6.1's IsConfigured contract).
type ChannelsConfig struct {
	WeWork WeWorkConfig `mapstructure:"wework"`
	Web    WebConfig    `mapstructure:"web"`
}

type WeWorkConfig struct {
	CorpID         string `mapstructure:"corpId"`
	CorpSecret     string `mapstructure:"corpSecret"`
	AgentID        string `mapstructure:"agentId"`
	Token          string `mapstructure:"token"`
	EncodingAESKey string `mapstructure:"encodingAesKey"`
	APIBaseURL     string `mapstructure:"apiBaseUrl"`
}

type WebConfig struct {
	Enabled bool `mapstructure:"enabled"`
}

// AuditConfig holds the append-only audit journal path.
type AuditConfig struct {
	JournalPath string `mapstructure:"journalPath"`
}

// IdentityConfig holds the Identity Service's refresh cadence and its
// static-source file path (an array of identity.Record, read as YAML for a
// .yaml/.yml path and as JSON otherwise).
type IdentityConfig struct {
	RefreshIntervalSeconds int    `mapstructure:"refreshIntervalSeconds"`
	SourcePath             string `mapstructure:"sourcePath"`
}

// AdminConfig holds the bcrypt-hashed operator token guarding
// internal/adminapi's /internal routes; the MCP server does not check it.
type AdminConfig struct {
	TokenHash string `mapstructure:"tokenHash"`
}

// MCPConfig holds the read-only MCP admin server's listen port.
type MCPConfig struct {
	Port int `mapstructure:"port"`
}

// TracingConfig holds OpenTelemetry exporter configuration.
type TracingConfig struct {
	Enabled     bool   `mapstructure:"enabled"`
	OTLPEndpoint string `mapstructure:"otlpEndpoint"`
	ServiceName string `mapstructure:"serviceName"`
}

// LoggingConfig holds logging configuration.
type LoggingConfig struct {
	Level      string `mapstructure:"level"`
	Format     string `mapstructure:"format"`
	OutputPath string `mapstructure:"outputPath"`
}

// ReadTimeoutDuration returns the read timeout as a time.Duration.
func (s *ServerConfig) ReadTimeoutDuration() time.Duration {
	return time.Duration(s.ReadTimeout) * time.Second
}

// WriteTimeoutDuration returns the write timeout as a time.Duration.
func (s *ServerConfig) WriteTimeoutDuration() time.Duration {
	return time.Duration(s.WriteTimeout) * time.Second
}

// DialTimeoutDuration returns the Redis dial timeout as a time.Duration.
func (r *RedisConfig) DialTimeoutDuration() time.Duration {
	return time.Duration(r.DialTimeout) * time.Second
}

// RequestTimeoutDuration returns the agent runtime request timeout.
func (a *AgentRuntimeConfig) RequestTimeoutDuration() time.Duration {
	return time.Duration(a.RequestTimeout) * time.Second
}

// BreakerOpenPeriodDuration returns the circuit breaker's open-state
// timeout before probing again.
func (a *AgentRuntimeConfig) BreakerOpenPeriodDuration() time.Duration {
	return time.Duration(a.BreakerOpenPeriod) * time.Second
}

// RefreshInterval returns the identity refresh cadence.
func (i *IdentityConfig) RefreshInterval() time.Duration {
	return time.Duration(i.RefreshIntervalSeconds) * time.Second
}

// MaxWaitDuration returns the pool's bounded-acquire wait.
func (p *PoolConfig) MaxWaitDuration() time.Duration {
	return time.Duration(p.MaxWaitSeconds) * time.Second
}

// detectDefaultLogFormat picks an environment-aware default: JSON under
// Kubernetes/production, human-readable text otherwise.
func detectDefaultLogFormat() string {
	if os.Getenv("KUBERNETES_SERVICE_HOST") != "" {
		return "json"
	}
	if env := os.Getenv("ROUTER_ENV"); env == "production" || env == "prod" {
		return "json"
	}
	return "text"
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.host", "0.0.0.0")
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.readTimeout", 30)
	v.SetDefault("server.writeTimeout", 30)

	v.SetDefault("redis.addr", "localhost:6379")
	v.SetDefault("redis.password", "")
	v.SetDefault("redis.db", 0)
	v.SetDefault("redis.dialTimeout", 5)

	v.SetDefault("database.driver", "sqlite")
	v.SetDefault("database.path", "./router_audit.db")
	v.SetDefault("database.host", "localhost")
	v.SetDefault("database.port", 5432)
	v.SetDefault("database.user", "router")
	v.SetDefault("database.password", "")
	v.SetDefault("database.dbName", "router")
	v.SetDefault("database.sslMode", "disable")
	v.SetDefault("database.maxConns", 10)
	v.SetDefault("database.minConns", 2)

	v.SetDefault("nats.url", "")
	v.SetDefault("nats.clusterId", "session-router-cluster")
	v.SetDefault("nats.clientId", "session-router")
	v.SetDefault("nats.maxReconnects", 10)

	v.SetDefault("agentRuntime.baseUrl", "http://localhost:8090")
	v.SetDefault("agentRuntime.authToken", "")
	v.SetDefault("agentRuntime.requestTimeout", 120)
	v.SetDefault("agentRuntime.breakerMaxFails", 5)
	v.SetDefault("agentRuntime.breakerOpenPeriod", 15)

	v.SetDefault("pool.maxConcurrency", 10)
	v.SetDefault("pool.maxWaitSeconds", 30)

	v.SetDefault("channels.wework.apiBaseUrl", "https://qyapi.weixin.qq.com/cgi-bin")
	v.SetDefault("channels.web.enabled", true)

	v.SetDefault("audit.journalPath", "./audit.log")

	v.SetDefault("identity.refreshIntervalSeconds", 300)
	v.SetDefault("identity.sourcePath", "")

	v.SetDefault("admin.tokenHash", "")

	v.SetDefault("mcp.port", 9595)

	v.SetDefault("tracing.enabled", false)
	v.SetDefault("tracing.otlpEndpoint", "")
	v.SetDefault("tracing.serviceName", "session-router")

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", detectDefaultLogFormat())
	v.SetDefault("logging.outputPath", "stdout")
}

// Load reads configuration from environment variables, config file, and
// defaults. Environment variables use the ROUTER_ prefix with
// snake_case naming.
func Load() (*Config, error) {
	return LoadWithPath("")
}

// LoadWithPath reads configuration from the specified path or default
// locations ("." and "/etc/session-router/").
func LoadWithPath(configPath string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	v.SetEnvPrefix("ROUTER")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	_ = v.BindEnv("redis.addr", "ROUTER_REDIS_ADDR")
	_ = v.BindEnv("agentRuntime.baseUrl", "ROUTER_AGENT_RUNTIME_BASE_URL")
	_ = v.BindEnv("agentRuntime.authToken", "ROUTER_AGENT_RUNTIME_AUTH_TOKEN")
	_ = v.BindEnv("channels.wework.corpId", "ROUTER_WEWORK_CORP_ID")
	_ = v.BindEnv("channels.wework.corpSecret", "ROUTER_WEWORK_CORP_SECRET")
	_ = v.BindEnv("channels.wework.agentId", "ROUTER_WEWORK_AGENT_ID")
	_ = v.BindEnv("channels.wework.token", "ROUTER_WEWORK_TOKEN")
	_ = v.BindEnv("channels.wework.encodingAesKey", "ROUTER_WEWORK_ENCODING_AES_KEY")
	_ = v.BindEnv("admin.tokenHash", "ROUTER_ADMIN_TOKEN_HASH")
	_ = v.BindEnv("logging.level", "ROUTER_LOG_LEVEL")

	v.SetConfigName("config")
	v.SetConfigType("yaml")
	if configPath != "" {
		v.AddConfigPath(configPath)
	}
	v.AddConfigPath(".")
	v.AddConfigPath("/etc/session-router/")

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("error reading config file: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("error unmarshaling config: %w", err)
	}

	if err := validate(&cfg); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}
	return &cfg, nil
}

// validate checks that configuration is internally consistent. Channel
// adapters are not validated here — each decides IsConfigured() for
// itself and is skipped (or rejected, in "enabled" registration mode)
// by internal/channel.Router accordingly.
func validate(cfg *Config) error {
	var errs []string

	if cfg.Server.Port <= 0 || cfg.Server.Port > 65535 {
		errs = append(errs, "server.port must be between 1 and 65535")
	}

	if cfg.Database.Driver == "postgres" {
		if cfg.Database.Port <= 0 || cfg.Database.Port > 65535 {
			errs = append(errs, "database.port must be between 1 and 65535")
		}
		if cfg.Database.User == "" {
			errs = append(errs, "database.user is required for postgres driver")
		}
		if cfg.Database.DBName == "" {
			errs = append(errs, "database.dbName is required for postgres driver")
		}
	}

	if cfg.Pool.MaxConcurrency <= 0 {
		errs = append(errs, "pool.maxConcurrency must be positive")
	}

	validLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLevels[strings.ToLower(cfg.Logging.Level)] {
		errs = append(errs, "logging.level must be one of: debug, info, warn, error")
	}
	validFormats := map[string]bool{"json": true, "text": true}
	if !validFormats[strings.ToLower(cfg.Logging.Format)] {
		errs = append(errs, "logging.format must be one of: json, text")
	}

	if len(errs) > 0 {
		return fmt.Errorf("%s", strings.Join(errs, "; "))
	}
	return nil
}

// DSN returns the PostgreSQL connection string.
func (d *DatabaseConfig) DSN() string {
	return fmt.Sprintf(
		"host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		d.Host, d.Port, d.User, d.Password, d.DBName, d.SSLMode,
	)
}

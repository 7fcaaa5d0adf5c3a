package config

import (
	"fmt"
	"log/slog"
	"time"

	"github.com/caarlos0/env/v11"
	"go.uber.org/fx"
)

var Module = fx.Module("config",
	fx.Provide(NewConfig),
)

// Config holds all application configuration.
type Config struct {
	ServerPort    int    `env:"SERVER_PORT" envDefault:"3002"`
	ServerAddress string `env:"SERVER_ADDRESS" envDefault:"0.0.0.0"`
	Environment   string `env:"ENVIRONMENT" envDefault:"local"`
	Debug         bool   `env:"DEBUG" envDefault:"false"`
	LogLevel      string `env:"LOG_LEVEL" envDefault:"info"`

	Database   DatabaseConfig
	Auth       AuthConfig
	Encryption EncryptionConfig
	Artifacts  ArtifactsConfig
	Dispatcher DispatcherConfig
	Deploy     DeployConfig
	Runners    RunnersConfig
	MCP        MCPConfig
	Otel       OtelConfig

	ReadTimeout     time.Duration `env:"SERVER_READ_TIMEOUT" envDefault:"5s"`
	WriteTimeout    time.Duration `env:"SERVER_WRITE_TIMEOUT" envDefault:"28800s"` // 8 hours for SSE
	IdleTimeout     time.Duration `env:"SERVER_IDLE_TIMEOUT" envDefault:"28800s"`
	ShutdownTimeout time.Duration `env:"SHUTDOWN_TIMEOUT" envDefault:"10s"`
}

// DatabaseConfig holds PostgreSQL connection settings.
type DatabaseConfig struct {
	Host         string        `env:"POSTGRES_HOST" envDefault:"localhost"`
	Port         int           `env:"POSTGRES_PORT" envDefault:"5432"`
	User         string        `env:"POSTGRES_USER" envDefault:"controlplane"`
	Password     string        `env:"POSTGRES_PASSWORD" envDefault:""`
	Database     string        `env:"POSTGRES_DB" envDefault:"controlplane"`
	SSLMode      string        `env:"POSTGRES_SSL_MODE" envDefault:"disable"`
	MaxOpenConns int           `env:"DB_MAX_OPEN_CONNS" envDefault:"25"`
	MaxIdleConns int           `env:"DB_MAX_IDLE_CONNS" envDefault:"5"`
	MaxIdleTime  time.Duration `env:"DB_MAX_IDLE_TIME" envDefault:"5m"`
	QueryDebug   bool          `env:"DB_QUERY_DEBUG" envDefault:"false"`
}

func (d *DatabaseConfig) DSN() string {
	return fmt.Sprintf(
		"postgres://%s:%s@%s:%d/%s?sslmode=%s",
		d.User, d.Password, d.Host, d.Port, d.Database, d.SSLMode,
	)
}

// AuthConfig holds the thin bearer-auth settings. Full identity management
// (who a user is, SSO, org membership) is a collaborator consumed only
// through auth.Middleware's interface, never implemented here.
type AuthConfig struct {
	JWTSecret  string `env:"JWT_SECRET" envDefault:""`
	AdminToken string `env:"ADMIN_TOKEN" envDefault:""`
	// DebugUserID, when set, bypasses verification and treats every request
	// as this owner (local dev only).
	DebugUserID string `env:"AUTH_DEBUG_USER_ID" envDefault:""`
}

// EncryptionConfig holds the Fernet-style symmetric key used to encrypt
// connector credentials at rest (§6: "decrypted only on read inside an
// owner-scoped request").
type EncryptionConfig struct {
	Key string `env:"INTEGRATION_ENCRYPTION_KEY" envDefault:""`
}

func (e *EncryptionConfig) IsConfigured() bool {
	return e.Key != ""
}

// ArtifactsConfig configures the filesystem-backed Artifact Store (C1).
type ArtifactsConfig struct {
	DataDir     string        `env:"ARTIFACTS_DATA_DIR" envDefault:"./data/artifacts"`
	LockTimeout time.Duration `env:"ARTIFACTS_LOCK_TIMEOUT" envDefault:"5s"`
}

// DispatcherConfig configures the Job Dispatcher (C6).
type DispatcherConfig struct {
	PollInterval      time.Duration `env:"DISPATCHER_POLL_INTERVAL" envDefault:"1s"`
	MaxConcurrentJobs int           `env:"DISPATCHER_MAX_CONCURRENT_JOBS" envDefault:"5"`
	JobTimeout        time.Duration `env:"DISPATCHER_JOB_TIMEOUT" envDefault:"10m"`
	HatchBinary       string        `env:"DISPATCHER_HATCH_BINARY" envDefault:"hatch"`
	WorkspaceRoot     string        `env:"DISPATCHER_WORKSPACE_ROOT" envDefault:"./data/workspaces"`
}

// DeployConfig configures the Rolling Deployer (C7).
type DeployConfig struct {
	DockerHost         string        `env:"DOCKER_HOST" envDefault:""`
	HealthCheckTimeout time.Duration `env:"DEPLOY_HEALTH_CHECK_TIMEOUT" envDefault:"30s"`
	HealthCheckRetries int           `env:"DEPLOY_HEALTH_CHECK_RETRIES" envDefault:"5"`
}

// RunnersConfig configures external runner host enrollment.
type RunnersConfig struct {
	EnrollTokenTTL time.Duration `env:"RUNNER_ENROLL_TOKEN_TTL" envDefault:"15m"`
}

// MCPConfig configures the dynamic MCP tool registry.
type MCPConfig struct {
	// StdioCommandAllowlist restricts which binaries may be launched as stdio
	// MCP servers; empty means no restriction (dev only).
	StdioCommandAllowlist []string `env:"MCP_STDIO_COMMAND_ALLOWLIST" envSeparator:","`
}

// NewConfig loads configuration from environment variables.
func NewConfig(log *slog.Logger) (*Config, error) {
	cfg := &Config{}
	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}

	log.Info("configuration loaded",
		slog.String("environment", cfg.Environment),
		slog.Int("port", cfg.ServerPort),
		slog.String("db_host", cfg.Database.Host),
	)

	return cfg, nil
}

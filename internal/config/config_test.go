package config

import (
	"log/slog"
	"os"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelError}))
}

func TestNewConfig_Defaults(t *testing.T) {
	cfg, err := NewConfig(testLogger())
	require.NoError(t, err)

	assert.Equal(t, 3002, cfg.ServerPort)
	assert.Equal(t, "localhost", cfg.Database.Host)
	assert.Equal(t, 5, cfg.Dispatcher.MaxConcurrentJobs)
	assert.Equal(t, "hatch", cfg.Dispatcher.HatchBinary)
	assert.False(t, cfg.Encryption.IsConfigured())
}

func TestEncryptionConfig_IsConfigured(t *testing.T) {
	t.Setenv("INTEGRATION_ENCRYPTION_KEY", "a-very-secret-key")
	cfg, err := NewConfig(testLogger())
	require.NoError(t, err)
	assert.True(t, cfg.Encryption.IsConfigured())
}

func TestMCPConfig_AllowlistParsing(t *testing.T) {
	t.Setenv("MCP_STDIO_COMMAND_ALLOWLIST", "npx,uvx,/usr/local/bin/my-mcp")
	cfg, err := NewConfig(testLogger())
	require.NoError(t, err)
	assert.Equal(t, []string{"npx", "uvx", "/usr/local/bin/my-mcp"}, cfg.MCP.StdioCommandAllowlist)
}

func TestDatabaseConfig_DSN(t *testing.T) {
	d := DatabaseConfig{
		Host: "db.internal", Port: 5432, User: "u", Password: "p", Database: "d", SSLMode: "disable",
	}
	assert.Equal(t, "postgres://u:p@db.internal:5432/d?sslmode=disable", d.DSN())
}

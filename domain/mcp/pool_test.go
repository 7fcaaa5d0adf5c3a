package mcp

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ficheops/control-plane/internal/config"
	"github.com/ficheops/control-plane/pkg/logger"
)

func TestEnvHashIsOrderIndependent(t *testing.T) {
	a := EnvHash(map[string]string{"A": "1", "B": "2"})
	b := EnvHash(map[string]string{"B": "2", "A": "1"})
	assert.Equal(t, a, b)
}

func TestEnvHashDistinguishesValues(t *testing.T) {
	a := EnvHash(map[string]string{"A": "1"})
	b := EnvHash(map[string]string{"A": "2"})
	c := EnvHash(nil)
	assert.NotEqual(t, a, b)
	assert.NotEqual(t, a, c)
}

func TestPoolKeySeparatesServers(t *testing.T) {
	base := ServerSpec{Name: "search", Command: "mcp-search", Env: map[string]string{"TOKEN": "x"}}

	same := keyFor(ServerSpec{Name: "search", Command: "mcp-search", Env: map[string]string{"TOKEN": "x"}})
	assert.Equal(t, keyFor(base), same)

	differentEnv := keyFor(ServerSpec{Name: "search", Command: "mcp-search", Env: map[string]string{"TOKEN": "y"}})
	assert.NotEqual(t, keyFor(base), differentEnv)

	differentCommand := keyFor(ServerSpec{Name: "search", Command: "mcp-search-v2", Env: map[string]string{"TOKEN": "x"}})
	assert.NotEqual(t, keyFor(base), differentCommand)
}

func TestAcquireRejectsDisallowedCommand(t *testing.T) {
	cfg := &config.Config{}
	cfg.MCP.StdioCommandAllowlist = []string{"mcp-search"}

	pool := NewPool(cfg, logger.NewLogger())
	_, err := pool.acquire(context.Background(), ServerSpec{Name: "evil", Command: "curl"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "allowlist")
}

func TestEmptyAllowlistPermitsAnyCommand(t *testing.T) {
	pool := NewPool(&config.Config{}, logger.NewLogger())
	assert.True(t, pool.commandAllowed("anything"))
}

func TestPrefixedToolName(t *testing.T) {
	assert.Equal(t, "search_query", PrefixedToolName("search", "query"))
}

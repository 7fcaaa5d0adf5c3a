// Package mcp maintains pooled stdio connections to external MCP servers and
// projects their tools into the runner's dynamic tool registry.
package mcp

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	mcpclient "github.com/mark3labs/mcp-go/client"
	mcpgo "github.com/mark3labs/mcp-go/mcp"

	"github.com/ficheops/control-plane/internal/config"
	"github.com/ficheops/control-plane/pkg/logger"
)

// ServerSpec identifies one stdio MCP server.
type ServerSpec struct {
	Name    string
	Command string
	Args    []string
	Env     map[string]string
}

// poolKey identifies a pooled connection: same server name, command, and
// environment share one subprocess.
type poolKey struct {
	name    string
	command string
	envHash string
}

// EnvHash derives the environment half of the pool key: a digest over the
// sorted key=value pairs, so env ordering never splits a pool entry.
func EnvHash(env map[string]string) string {
	pairs := make([]string, 0, len(env))
	for k, v := range env {
		pairs = append(pairs, k+"="+v)
	}
	sort.Strings(pairs)
	sum := sha256.Sum256([]byte(strings.Join(pairs, "\x00")))
	return hex.EncodeToString(sum[:8])
}

func keyFor(spec ServerSpec) poolKey {
	return poolKey{name: spec.Name, command: spec.Command, envHash: EnvHash(spec.Env)}
}

// conn is one pooled subprocess. Its mutex serializes connect, health check,
// and reconnect for the key.
type conn struct {
	mu       sync.Mutex
	client   *mcpclient.Client
	spec     ServerSpec
	lastPing time.Time
}

// Pool manages stdio MCP subprocesses keyed by (name, command, env hash).
type Pool struct {
	cfg *config.Config
	log *slog.Logger

	mu    sync.Mutex
	conns map[poolKey]*conn
}

// NewPool creates an empty Pool.
func NewPool(cfg *config.Config, log *slog.Logger) *Pool {
	return &Pool{
		cfg:   cfg,
		log:   log.With(logger.Scope("mcp")),
		conns: make(map[poolKey]*conn),
	}
}

const pingInterval = 30 * time.Second

// commandAllowed enforces the stdio command allowlist. An empty allowlist
// permits everything (dev only).
func (p *Pool) commandAllowed(command string) bool {
	if len(p.cfg.MCP.StdioCommandAllowlist) == 0 {
		return true
	}
	for _, allowed := range p.cfg.MCP.StdioCommandAllowlist {
		if allowed == command {
			return true
		}
	}
	return false
}

// acquire returns the pooled connection for spec, creating or reconnecting
// it as needed. The per-key lock is held only for connect/health, never
// across a tool call.
func (p *Pool) acquire(ctx context.Context, spec ServerSpec) (*conn, error) {
	if !p.commandAllowed(spec.Command) {
		return nil, fmt.Errorf("command %q is not in the MCP stdio allowlist", spec.Command)
	}

	key := keyFor(spec)
	p.mu.Lock()
	c, ok := p.conns[key]
	if !ok {
		c = &conn{spec: spec}
		p.conns[key] = c
	}
	p.mu.Unlock()

	c.mu.Lock()
	defer c.mu.Unlock()

	if c.client != nil {
		if time.Since(c.lastPing) < pingInterval {
			return c, nil
		}
		if err := c.client.Ping(ctx); err == nil {
			c.lastPing = time.Now()
			return c, nil
		}
		p.log.Warn("mcp server unresponsive, reconnecting", slog.String("server", spec.Name))
		_ = c.client.Close()
		c.client = nil
	}

	client, err := connect(ctx, spec)
	if err != nil {
		return nil, err
	}
	c.client = client
	c.lastPing = time.Now()
	return c, nil
}

func connect(ctx context.Context, spec ServerSpec) (*mcpclient.Client, error) {
	env := make([]string, 0, len(spec.Env))
	for k, v := range spec.Env {
		env = append(env, k+"="+v)
	}
	sort.Strings(env)

	client, err := mcpclient.NewStdioMCPClient(spec.Command, env, spec.Args...)
	if err != nil {
		return nil, fmt.Errorf("starting stdio MCP server %q: %w", spec.Name, err)
	}

	_, err = client.Initialize(ctx, mcpgo.InitializeRequest{
		Params: mcpgo.InitializeParams{
			ProtocolVersion: mcpgo.LATEST_PROTOCOL_VERSION,
			ClientInfo: mcpgo.Implementation{
				Name:    "control-plane",
				Version: "1.0.0",
			},
		},
	})
	if err != nil {
		client.Close()
		return nil, fmt.Errorf("initializing MCP session with %q: %w", spec.Name, err)
	}
	return client, nil
}

// ListTools returns the tools a server exposes.
func (p *Pool) ListTools(ctx context.Context, spec ServerSpec) ([]mcpgo.Tool, error) {
	c, err := p.acquire(ctx, spec)
	if err != nil {
		return nil, err
	}
	result, err := c.client.ListTools(ctx, mcpgo.ListToolsRequest{})
	if err != nil {
		return nil, fmt.Errorf("listing tools on %q: %w", spec.Name, err)
	}
	return result.Tools, nil
}

// CallTool forwards one tool call to the server.
func (p *Pool) CallTool(ctx context.Context, spec ServerSpec, tool string, args map[string]any) (*mcpgo.CallToolResult, error) {
	c, err := p.acquire(ctx, spec)
	if err != nil {
		return nil, err
	}
	result, err := c.client.CallTool(ctx, mcpgo.CallToolRequest{
		Params: mcpgo.CallToolParams{
			Name:      tool,
			Arguments: args,
		},
	})
	if err != nil {
		return nil, fmt.Errorf("calling %s on %q: %w", tool, spec.Name, err)
	}
	return result, nil
}

// Shutdown closes every pooled subprocess. Called from the application
// context's teardown.
func (p *Pool) Shutdown() {
	p.mu.Lock()
	defer p.mu.Unlock()
	for key, c := range p.conns {
		c.mu.Lock()
		if c.client != nil {
			if err := c.client.Close(); err != nil {
				p.log.Warn("closing mcp connection", slog.String("server", key.name), logger.Error(err))
			}
			c.client = nil
		}
		c.mu.Unlock()
	}
	p.conns = make(map[poolKey]*conn)
}

package mcp

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	mcpgo "github.com/mark3labs/mcp-go/mcp"

	"github.com/ficheops/control-plane/domain/runner"
)

// Adapter projects MCP server tools into the runner's dynamic registry.
// Tool names are prefixed with the server name ("myserver_search") so fiches
// allow them individually and dispatch stays name-keyed.
type Adapter struct {
	pool     *Pool
	registry *runner.Registry
}

// NewAdapter creates an Adapter.
func NewAdapter(pool *Pool, registry *runner.Registry) *Adapter {
	return &Adapter{pool: pool, registry: registry}
}

// AddServer connects to a server, lists its tools, and registers each in the
// runner's registry. Re-adding a server refreshes its tool set.
func (a *Adapter) AddServer(ctx context.Context, spec ServerSpec) ([]string, error) {
	tools, err := a.pool.ListTools(ctx, spec)
	if err != nil {
		return nil, err
	}

	names := make([]string, 0, len(tools))
	for _, t := range tools {
		bound := &remoteTool{
			pool:        a.pool,
			spec:        spec,
			remoteName:  t.Name,
			boundName:   PrefixedToolName(spec.Name, t.Name),
			description: t.Description,
			schema:      toolSchema(t),
		}
		a.registry.Register(bound)
		names = append(names, bound.boundName)
	}
	return names, nil
}

// PrefixedToolName is the registry name of a remote tool.
func PrefixedToolName(serverName, toolName string) string {
	return serverName + "_" + toolName
}

func toolSchema(t mcpgo.Tool) map[string]any {
	schema := map[string]any{"type": t.InputSchema.Type}
	if schema["type"] == "" {
		schema["type"] = "object"
	}
	if t.InputSchema.Properties != nil {
		schema["properties"] = t.InputSchema.Properties
	}
	if len(t.InputSchema.Required) > 0 {
		schema["required"] = t.InputSchema.Required
	}
	return schema
}

// remoteTool adapts one MCP tool to the runner's LocalTool interface.
type remoteTool struct {
	pool        *Pool
	spec        ServerSpec
	remoteName  string
	boundName   string
	description string
	schema      map[string]any
}

func (t *remoteTool) Name() string               { return t.boundName }
func (t *remoteTool) Description() string        { return t.description }
func (t *remoteTool) Parameters() map[string]any { return t.schema }

func (t *remoteTool) Execute(ctx context.Context, argumentsJSON string) (string, error) {
	var args map[string]any
	if argumentsJSON != "" {
		if err := json.Unmarshal([]byte(argumentsJSON), &args); err != nil {
			return "", fmt.Errorf("invalid arguments for %s: %w", t.boundName, err)
		}
	}

	result, err := t.pool.CallTool(ctx, t.spec, t.remoteName, args)
	if err != nil {
		return "", err
	}
	if result.IsError {
		return "", fmt.Errorf("%s failed: %s", t.boundName, flattenContent(result))
	}
	return flattenContent(result), nil
}

func flattenContent(result *mcpgo.CallToolResult) string {
	var parts []string
	for _, c := range result.Content {
		if text, ok := mcpgo.AsTextContent(c); ok {
			parts = append(parts, text.Text)
			continue
		}
		parts = append(parts, fmt.Sprintf("[unsupported content type: %T]", c))
	}
	return strings.Join(parts, "\n")
}

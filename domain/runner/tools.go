package runner

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/ficheops/control-plane/domain/runner/llm"
)

// SpawnCommisTool is the name of the suspending tool call that hands a task
// off to a disposable commis sub-agent.
const SpawnCommisTool = "spawn_commis"

// DeferCourseTool is the name of the hand-off tool call: the course leaves
// RUNNING for DEFERRED and expects a later continuation course to settle it.
const DeferCourseTool = "defer_course"

// ToolEnvelope is the {ok, error:{type, message}} shape persisted as a failed
// tool's ThreadMessage content, so the LLM can react on the next turn.
type ToolEnvelope struct {
	OK     bool               `json:"ok"`
	Result any                `json:"result,omitempty"`
	Error  *ToolEnvelopeError `json:"error,omitempty"`
}

// ToolEnvelopeError is the error shape inside a failed ToolEnvelope.
type ToolEnvelopeError struct {
	Type    string `json:"type"`
	Message string `json:"message"`
}

func okEnvelope(result any) string {
	b, _ := json.Marshal(ToolEnvelope{OK: true, Result: result})
	return string(b)
}

func errEnvelope(kind, message string) string {
	b, _ := json.Marshal(ToolEnvelope{OK: false, Error: &ToolEnvelopeError{Type: kind, Message: message}})
	return string(b)
}

// LocalTool is a capability the runner can execute without suspending the
// turn loop.
type LocalTool interface {
	Name() string
	Description() string
	Parameters() map[string]any
	Execute(ctx context.Context, argumentsJSON string) (string, error)
}

// Registry is the dynamic, per-fiche set of tools bound into an LLM call.
// It is a name-keyed map; the MCP adapter refreshes it on add_server, and the
// binding list is rebuilt every turn from allowed_tools.
type Registry struct {
	tools map[string]LocalTool
}

// NewRegistry creates a Registry seeded with the built-in local tools.
func NewRegistry() *Registry {
	r := &Registry{tools: make(map[string]LocalTool)}
	r.Register(timeTool{})
	r.Register(&httpTool{client: &http.Client{Timeout: 30 * time.Second}})
	r.Register(locationTool{})
	return r
}

// Register adds or replaces a tool by name.
func (r *Registry) Register(t LocalTool) {
	r.tools = cloneTools(r.tools)
	r.tools[t.Name()] = t
}

func cloneTools(in map[string]LocalTool) map[string]LocalTool {
	out := make(map[string]LocalTool, len(in)+1)
	for k, v := range in {
		out[k] = v
	}
	return out
}

// Get returns the tool registered under name, if any.
func (r *Registry) Get(name string) (LocalTool, bool) {
	t, ok := r.tools[name]
	return t, ok
}

// BoundNames returns the subset of allowedTools for which a local (or
// dynamically registered) tool exists, plus the always-suspending
// spawn_commis tool when allowed.
func (r *Registry) BoundNames(allowedTools []string) []string {
	out := make([]string, 0, len(allowedTools))
	for _, name := range allowedTools {
		if name == SpawnCommisTool || name == DeferCourseTool {
			out = append(out, name)
			continue
		}
		if _, ok := r.tools[name]; ok {
			out = append(out, name)
		}
	}
	return out
}

// Specs builds the LLM tool binding list for allowedTools, rebuilt each turn.
func (r *Registry) Specs(allowedTools []string) []llm.ToolSpec {
	names := r.BoundNames(allowedTools)
	out := make([]llm.ToolSpec, 0, len(names))
	for _, name := range names {
		if name == SpawnCommisTool {
			out = append(out, spawnCommisSpec())
			continue
		}
		if name == DeferCourseTool {
			out = append(out, deferCourseSpec())
			continue
		}
		t := r.tools[name]
		out = append(out, llm.ToolSpec{
			Name:        t.Name(),
			Description: t.Description(),
			Parameters:  t.Parameters(),
		})
	}
	return out
}

func spawnCommisSpec() llm.ToolSpec {
	return llm.ToolSpec{
		Name:        SpawnCommisTool,
		Description: "Delegate a focused task to a disposable sub-worker. The conversation pauses until the worker finishes.",
		Parameters: map[string]any{
			"type": "object",
			"properties": map[string]any{
				"task":              map[string]any{"type": "string", "description": "What the worker should do"},
				"model":             map[string]any{"type": "string"},
				"execution_mode":    map[string]any{"type": "string", "enum": []string{"standard", "workspace"}},
				"git_repo":          map[string]any{"type": "string"},
				"resume_session_id": map[string]any{"type": "string"},
				"timeout_seconds":   map[string]any{"type": "integer"},
			},
			"required": []string{"task"},
		},
	}
}

func deferCourseSpec() llm.ToolSpec {
	return llm.ToolSpec{
		Name:        DeferCourseTool,
		Description: "Hand this conversation off: stop here and let a later run pick it up and finish.",
		Parameters: map[string]any{
			"type": "object",
			"properties": map[string]any{
				"reason": map[string]any{"type": "string"},
			},
		},
	}
}

// timeTool returns the current UTC time. A representative always-available
// local tool.
type timeTool struct{}

func (timeTool) Name() string        { return "current_time" }
func (timeTool) Description() string { return "Get the current UTC time." }
func (timeTool) Parameters() map[string]any {
	return map[string]any{"type": "object", "properties": map[string]any{}}
}

func (timeTool) Execute(ctx context.Context, argumentsJSON string) (string, error) {
	return okEnvelope(map[string]string{"utc": time.Now().UTC().Format(time.RFC3339)}), nil
}

// httpTool performs a bounded HTTP request on the agent's behalf.
type httpTool struct {
	client *http.Client
}

type httpToolArgs struct {
	URL    string            `json:"url"`
	Method string            `json:"method,omitempty"`
	Body   string            `json:"body,omitempty"`
	Header map[string]string `json:"headers,omitempty"`
}

const httpToolMaxBody = 256 * 1024

func (*httpTool) Name() string        { return "http_request" }
func (*httpTool) Description() string { return "Perform an HTTP request and return status and body." }
func (*httpTool) Parameters() map[string]any {
	return map[string]any{
		"type": "object",
		"properties": map[string]any{
			"url":     map[string]any{"type": "string"},
			"method":  map[string]any{"type": "string"},
			"body":    map[string]any{"type": "string"},
			"headers": map[string]any{"type": "object"},
		},
		"required": []string{"url"},
	}
}

func (t *httpTool) Execute(ctx context.Context, argumentsJSON string) (string, error) {
	var args httpToolArgs
	if err := json.Unmarshal([]byte(argumentsJSON), &args); err != nil {
		return errEnvelope("validation", "invalid http_request arguments: "+err.Error()), nil
	}
	if !strings.HasPrefix(args.URL, "http://") && !strings.HasPrefix(args.URL, "https://") {
		return errEnvelope("validation", "url must be http(s)"), nil
	}
	method := strings.ToUpper(args.Method)
	if method == "" {
		method = http.MethodGet
	}

	var body io.Reader
	if args.Body != "" {
		body = strings.NewReader(args.Body)
	}
	req, err := http.NewRequestWithContext(ctx, method, args.URL, body)
	if err != nil {
		return errEnvelope("validation", err.Error()), nil
	}
	for k, v := range args.Header {
		req.Header.Set(k, v)
	}

	resp, err := t.client.Do(req)
	if err != nil {
		return errEnvelope("remote", err.Error()), nil
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, httpToolMaxBody))
	if err != nil {
		return errEnvelope("remote", err.Error()), nil
	}
	return okEnvelope(map[string]any{"status": resp.StatusCode, "body": string(data)}), nil
}

// locationTool resolves the deployment's configured location. When the
// geolocation credentials are absent it returns an error envelope rather than
// failing the turn.
type locationTool struct{}

func (locationTool) Name() string        { return "get_current_location" }
func (locationTool) Description() string { return "Get the configured location of this deployment." }
func (locationTool) Parameters() map[string]any {
	return map[string]any{"type": "object", "properties": map[string]any{}}
}

func (locationTool) Execute(ctx context.Context, argumentsJSON string) (string, error) {
	key := os.Getenv("GEOLOCATION_API_KEY")
	if key == "" {
		return errEnvelope("credentials", "geolocation credentials are not configured"), nil
	}
	loc := os.Getenv("DEPLOYMENT_LOCATION")
	if loc == "" {
		return errEnvelope("credentials", "no location configured for this deployment"), nil
	}
	return okEnvelope(map[string]string{"location": loc}), nil
}

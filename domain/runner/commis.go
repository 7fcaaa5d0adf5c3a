package runner

import (
	"context"
	"fmt"
	"strings"

	"go.opentelemetry.io/otel/attribute"

	"github.com/ficheops/control-plane/domain/courses"
	"github.com/ficheops/control-plane/domain/runner/llm"
	"github.com/ficheops/control-plane/pkg/tracing"
)

// CommisArtifacts is the artifact-store surface a commis loop writes to.
// Satisfied by *artifacts.Store.
type CommisArtifacts interface {
	SaveMessage(commisID string, message any) error
	SaveToolOutput(commisID string, n int, toolName, output string) error
	SaveResult(commisID, result string) error
}

// commisSystemPrompt frames the disposable worker. Commis cannot spawn
// further workers; their tool set is the local registry only.
const commisSystemPrompt = "You are a focused worker agent. Complete the task you are given and reply with the final result. Do not ask questions."

// commisAllowedTools is the fixed local tool set bound into a commis turn.
var commisAllowedTools = []string{"current_time", "http_request", "get_current_location"}

// RunCommis executes a standard-mode commis job: an in-memory agent loop on a
// transient fiche built from the job's config, persisting every message and
// tool output to the artifact store. It returns the final result text.
func (r *Runner) RunCommis(ctx context.Context, job *courses.CommisJob, commisID string, store CommisArtifacts) (string, error) {
	ctx, span := tracing.Start(ctx, "runner.commis",
		attribute.String("job.id", job.ID),
		attribute.String("commis.id", commisID),
	)
	defer span.End()

	msgs := []llm.Message{
		{Role: "system", Content: commisSystemPrompt},
		{Role: "user", Content: job.Task},
	}
	for _, m := range msgs {
		if err := store.SaveMessage(commisID, m); err != nil {
			return "", fmt.Errorf("save message: %w", err)
		}
	}

	specs := r.tools.Specs(commisAllowedTools)
	toolSeq := 0

	for turn := 0; turn < maxTurns; turn++ {
		if err := ctx.Err(); err != nil {
			return "", err
		}

		resp, err := r.llm.Complete(ctx, job.Model, msgs, specs)
		if err != nil {
			return "", fmt.Errorf("llm: %w", err)
		}

		if len(resp.ToolCalls) == 0 {
			assistant := llm.Message{Role: "assistant", Content: resp.Content}
			_ = store.SaveMessage(commisID, assistant)
			if err := store.SaveResult(commisID, resp.Content); err != nil {
				return "", fmt.Errorf("save result: %w", err)
			}
			return resp.Content, nil
		}

		assistant := llm.Message{Role: "assistant", Content: resp.Content, ToolCalls: resp.ToolCalls}
		msgs = append(msgs, assistant)
		_ = store.SaveMessage(commisID, assistant)

		for _, tc := range resp.ToolCalls {
			if tc.Name == SpawnCommisTool {
				// Not bound for commis, but a model may still emit it.
				content := errEnvelope("validation", "workers cannot spawn further workers")
				msgs = append(msgs, llm.Message{Role: "tool", Content: content, ToolCallID: tc.ID, Name: tc.Name})
				_ = store.SaveMessage(commisID, msgs[len(msgs)-1])
				continue
			}

			toolSeq++
			var content string
			if tool, ok := r.tools.Get(tc.Name); ok {
				out, execErr := tool.Execute(ctx, tc.Arguments)
				if execErr != nil {
					content = errEnvelope("tool_error", execErr.Error())
				} else {
					content = out
				}
			} else {
				content = errEnvelope("unknown_tool", fmt.Sprintf("tool %q is not available", tc.Name))
			}

			_ = store.SaveToolOutput(commisID, toolSeq, tc.Name, content)
			toolMsg := llm.Message{Role: "tool", Content: content, ToolCallID: tc.ID, Name: tc.Name}
			msgs = append(msgs, toolMsg)
			_ = store.SaveMessage(commisID, toolMsg)
		}
	}

	return "", fmt.Errorf("commis turn limit (%d) exceeded", maxTurns)
}

// CommisResultMessage renders a settled commis outcome as the ToolMessage
// content injected back into the concierge conversation.
func CommisResultMessage(status, result, errMsg string) string {
	switch status {
	case courses.JobStatusSuccess:
		return "Worker completed the task. Result:\n" + strings.TrimSpace(result)
	case courses.JobStatusTimeout:
		return "Worker timed out before finishing the task."
	default:
		if errMsg == "" {
			errMsg = "unknown error"
		}
		return "Worker failed: " + errMsg
	}
}

package executor

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	sdk "github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"

	"github.com/resume-agent/runtime/internal/apierror"
	"github.com/resume-agent/runtime/internal/run"
	"github.com/resume-agent/runtime/internal/runlog"
	"github.com/resume-agent/runtime/internal/session"
	"github.com/resume-agent/runtime/internal/store"
)

// messagesClient is the narrow slice of the Anthropic SDK's message
// service the real executor needs, kept as an interface so tests can
// substitute a fake rather than calling the live API.
type messagesClient interface {
	New(ctx context.Context, body sdk.MessageNewParams, opts ...option.RequestOption) (*sdk.Message, error)
}

// Real is a deliberately narrow LLM-backed executor: one non-tool-using
// completion, and at most one round of tool-call proposal/approval. It is
// not a full agent loop — multi-step tool chaining is out of scope per
// spec.md's Non-goals ("the LLM provider adapters, tool implementations,
// resume-domain logic" are external collaborators).
type Real struct {
	Client    messagesClient
	Model     string
	MaxTokens int
}

// Execute implements Executor.
func (r Real) Execute(ctx context.Context, deps Deps, sess session.Session, run_ run.Run) Outcome {
	tenantID, sessionID, runID := sess.TenantID, sess.SessionID, run_.RunID

	// An interrupt may have arrived while the run was still queued.
	if current, err := deps.Store.GetRun(ctx, tenantID, sessionID, runID); err != nil {
		return Outcome{Err: err}
	} else if current.InterruptRequested {
		if _, err := finalizeRun(ctx, deps, sess, current, run.StatusInterrupted, nil); err != nil {
			return Outcome{Err: err}
		}
		return Outcome{}
	}

	if _, err := deps.Store.UpdateRun(ctx, runID, func(rr *run.Run) error {
		rr.Status = run.StatusRunning
		if rr.StartedAt == nil {
			t := time.Now().UTC()
			rr.StartedAt = &t
		}
		return nil
	}); err != nil {
		return Outcome{Err: err}
	}
	if _, err := appendEvent(ctx, deps, sessionID, runID, runlog.TypeRunStarted, nil); err != nil {
		return Outcome{Err: err}
	}

	maxTokens := r.MaxTokens
	if maxTokens <= 0 {
		maxTokens = 1024
	}
	resp, err := r.Client.New(ctx, sdk.MessageNewParams{
		Model:     sdk.Model(r.Model),
		MaxTokens: int64(maxTokens),
		Messages: []sdk.MessageParam{
			sdk.NewUserMessage(sdk.NewTextBlock(run_.Message)),
		},
	})
	if err != nil {
		return r.fail(ctx, deps, sess, run_, err)
	}

	var text string
	var toolCall *sdk.ContentBlockUnion
	for i, block := range resp.Content {
		switch block.Type {
		case "text":
			text += block.Text
		case "tool_use":
			if toolCall == nil {
				toolCall = &resp.Content[i]
			}
		}
	}
	if text != "" {
		if _, err := appendEvent(ctx, deps, sessionID, runID, runlog.TypeAssistantDelta, map[string]any{"text": text}); err != nil {
			return Outcome{Err: err}
		}
	}

	if toolCall != nil {
		current, err := deps.Store.GetRun(ctx, tenantID, sessionID, runID)
		if err != nil {
			return Outcome{Err: err}
		}
		approved, rejected, err := proposeAndAwait(ctx, deps, sess, current, store.ProposedCall{
			ToolName: toolCall.Name,
			Args:     anyMap(toolCall.Input),
		})
		if err != nil {
			return Outcome{Err: err}
		}
		switch {
		case rejected:
			if _, err := finalizeRun(ctx, deps, sess, run_, run.StatusCompleted, nil); err != nil {
				return Outcome{Err: err}
			}
			return Outcome{}
		case !approved:
			if _, err := finalizeRun(ctx, deps, sess, run_, run.StatusInterrupted, nil); err != nil {
				return Outcome{Err: err}
			}
			return Outcome{}
		}
		if _, err := appendEvent(ctx, deps, sessionID, runID, runlog.TypeToolResult, map[string]any{
			"tool_name": toolCall.Name,
			"args":      anyMap(toolCall.Input),
		}); err != nil {
			return Outcome{Err: err}
		}
	}

	updatedRun, err := finalizeRun(ctx, deps, sess, run_, run.StatusCompleted, nil)
	if err != nil {
		return Outcome{Err: err}
	}
	if u := resp.Usage; u.InputTokens != 0 || u.OutputTokens != 0 {
		if _, err := deps.Store.UpdateRun(ctx, updatedRun.RunID, func(rr *run.Run) error {
			rr.UsageTokens = u.InputTokens + u.OutputTokens
			rr.EstimatedCostUSD = float64(rr.UsageTokens) / 1e6 * deps.CostPerMillionTokens
			return nil
		}); err != nil {
			return Outcome{Err: err}
		}
	}
	return Outcome{}
}

func (r Real) fail(ctx context.Context, deps Deps, sess session.Session, run_ run.Run, cause error) Outcome {
	if _, err := finalizeRun(ctx, deps, sess, run_, run.StatusFailed, &run.Error{
		Code:    string(apierror.CodeInternal),
		Message: fmt.Sprintf("executor: anthropic request failed: %v", cause),
	}); err != nil {
		return Outcome{Err: err}
	}
	return Outcome{}
}

// anyMap normalizes a tool_use block's Input into a map, regardless of
// whether the SDK surfaces it as a decoded map or as raw JSON bytes.
func anyMap(v any) map[string]any {
	switch t := v.(type) {
	case map[string]any:
		return t
	case json.RawMessage:
		var m map[string]any
		_ = json.Unmarshal(t, &m)
		return m
	case []byte:
		var m map[string]any
		_ = json.Unmarshal(t, &m)
		return m
	default:
		return nil
	}
}

// Package pipeline implements the stage handlers the worker pool
// dispatches jobs to. Handlers run under at-least-once delivery: every
// handler checks entity state before acting and treats a stale
// redelivery as a no-op.
package pipeline

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"strings"

	"shipline/internal/config"
	"shipline/internal/domain"
	"shipline/internal/engine"
	"shipline/internal/faults"
	"shipline/internal/queue"
	"shipline/internal/repo"
	"shipline/internal/services"
)

type Handlers struct {
	Engine    engine.Engine
	Queue     *queue.Queue
	Repo      repo.Repo
	Config    *config.Config
	Completer services.Completer
	Source    services.SourceControl
	Importer  services.DocumentImporter
	Logger    *log.Logger
}

// DevelopPayload selects the development rerun mode. An empty mode is a
// first run or crash rerun and skips tasks already done; reprocess
// re-runs every task with the reviewer feedback in context.
type DevelopPayload struct {
	Mode     string `json:"mode,omitempty"`
	Feedback string `json:"feedback,omitempty"`
}

const ModeReprocess = "reprocess"

// Handle routes one leased job to its stage. The switch is exhaustive
// over the job types the queue accepts; an unknown type can only mean a
// version skew and is unrecoverable.
func (h *Handlers) Handle(ctx context.Context, job domain.Job) error {
	switch job.Type {
	case domain.JobPlanInitiative:
		return h.PlanInitiative(ctx, job)
	case domain.JobDecomposeFeature:
		return h.DecomposeFeature(ctx, job)
	case domain.JobDevelopFeature:
		return h.DevelopFeature(ctx, job)
	case domain.JobQAReview:
		return h.QAReview(ctx, job)
	case domain.JobNotifyHuman:
		return h.NotifyHuman(ctx, job)
	case domain.JobMergeFeature:
		return h.MergeFeature(ctx, job)
	case domain.JobCompleteInitiative:
		return h.CompleteInitiative(ctx, job)
	}
	return faults.Permanentf("no handler for job type %q", job.Type)
}

func (h *Handlers) logf(format string, args ...any) {
	if h.Logger != nil {
		h.Logger.Printf(format, args...)
	}
}

// haltIfInactive reports whether the initiative can no longer run
// pipeline work. Terminal and paused initiatives swallow their stale
// jobs instead of erroring so the queue drains quietly after a cancel.
func (h *Handlers) haltIfInactive(ctx context.Context, initiativeID string) (bool, domain.Initiative, error) {
	in, err := h.Repo.GetInitiative(ctx, initiativeID)
	if err == repo.ErrNotFound {
		return true, in, faults.Permanentf("initiative %s not found", initiativeID)
	}
	if err != nil {
		return true, in, err
	}
	if in.Status.Terminal() {
		h.logf("job skipped: initiative %s is %s", in.ID, in.Status)
		return true, in, nil
	}
	return false, in, nil
}

func (h *Handlers) featureFromJob(ctx context.Context, job domain.Job) (domain.Feature, error) {
	if job.FeatureID == nil || *job.FeatureID == "" {
		return domain.Feature{}, faults.Permanentf("job %s (%s) has no feature", job.ID, job.Type)
	}
	f, err := h.Repo.GetFeature(ctx, *job.FeatureID)
	if err == repo.ErrNotFound {
		return f, faults.Permanentf("feature %s not found", *job.FeatureID)
	}
	return f, err
}

// complete runs one model call with the per-stage timeout applied.
func (h *Handlers) complete(ctx context.Context, stage string, req services.CompletionRequest) (services.CompletionResponse, error) {
	if h.Config != nil {
		if d := h.Config.AgentTimeout(stage); d > 0 {
			var cancel context.CancelFunc
			ctx, cancel = context.WithTimeout(ctx, d)
			defer cancel()
		}
	}
	if req.MaxTokens == 0 && h.Config != nil {
		req.MaxTokens = h.Config.Agent.MaxTokens
	}
	return h.Completer.Complete(ctx, req)
}

// completeWithTools runs a bounded tool loop: the model may inspect the
// repository through read-only source control tools before producing
// its final answer.
func (h *Handlers) completeWithTools(ctx context.Context, stage string, req services.CompletionRequest) (services.CompletionResponse, error) {
	req.Tools = repoTools()
	const maxRounds = 8
	for round := 0; ; round++ {
		resp, err := h.complete(ctx, stage, req)
		if err != nil {
			return resp, err
		}
		if len(resp.ToolCalls) == 0 || round >= maxRounds {
			return resp, nil
		}
		for _, call := range resp.ToolCalls {
			result := h.runTool(ctx, call)
			req.Messages = append(req.Messages,
				services.Message{Role: "assistant", Content: fmt.Sprintf("tool call %s(%s)", call.Name, call.InputJSON)},
				services.Message{Role: "user", Content: fmt.Sprintf("tool result %s: %s", call.Name, result)},
			)
		}
	}
}

func repoTools() []services.ToolSpec {
	return []services.ToolSpec{
		{Name: "read_file", Description: "Read one file from the repository", InputSchema: map[string]any{
			"type": "object", "properties": map[string]any{"path": map[string]any{"type": "string"}}, "required": []string{"path"},
		}},
		{Name: "list_dir", Description: "List one directory of the repository", InputSchema: map[string]any{
			"type": "object", "properties": map[string]any{"dir": map[string]any{"type": "string"}},
		}},
		{Name: "search_code", Description: "Search the repository for a string", InputSchema: map[string]any{
			"type": "object", "properties": map[string]any{"query": map[string]any{"type": "string"}}, "required": []string{"query"},
		}},
	}
}

func (h *Handlers) runTool(ctx context.Context, call services.ToolCall) string {
	var input struct {
		Path  string `json:"path"`
		Dir   string `json:"dir"`
		Query string `json:"query"`
	}
	if err := json.Unmarshal([]byte(call.InputJSON), &input); err != nil {
		return "error: bad tool input: " + err.Error()
	}
	repoName := h.Config.Pipeline.Repo
	base := h.Config.Pipeline.BaseBranch
	switch call.Name {
	case "read_file":
		content, err := h.Source.ReadFile(ctx, repoName, base, input.Path)
		if err != nil {
			return "error: " + err.Error()
		}
		return content
	case "list_dir":
		entries, err := h.Source.ListDir(ctx, repoName, base, input.Dir)
		if err != nil {
			return "error: " + err.Error()
		}
		return formatEntries(entries)
	case "search_code":
		entries, err := h.Source.SearchCode(ctx, repoName, input.Query)
		if err != nil {
			return "error: " + err.Error()
		}
		return formatEntries(entries)
	}
	return "error: unknown tool " + call.Name
}

func formatEntries(entries []services.FileEntry) string {
	if len(entries) == 0 {
		return "(none)"
	}
	var b strings.Builder
	for _, e := range entries {
		b.WriteString(e.Path)
		if e.IsDir {
			b.WriteString("/")
		}
		b.WriteString("\n")
	}
	return b.String()
}

// extractJSON pulls the first JSON object out of a model reply,
// tolerating markdown fences and surrounding prose.
func extractJSON(text string) (string, error) {
	start := strings.Index(text, "{")
	end := strings.LastIndex(text, "}")
	if start < 0 || end <= start {
		return "", fmt.Errorf("no JSON object in model output")
	}
	return text[start : end+1], nil
}

func decodeModelJSON(text string, out any) error {
	raw, err := extractJSON(text)
	if err != nil {
		return err
	}
	if err := json.Unmarshal([]byte(raw), out); err != nil {
		return fmt.Errorf("decode model output: %w", err)
	}
	return nil
}

package pipeline

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"shipline/internal/domain"
	"shipline/internal/faults"
	"shipline/internal/services"
)

const developerSystem = `You are a software developer implementing one task on a working branch. You may inspect the repository with the provided tools. When done, produce a JSON object:
{"summary": "...", "files": [{"path": "...", "content": "..."}]}
files holds the complete new content of every file you create or modify. Reply with the JSON object only.`

type developOutput struct {
	Summary string `json:"summary"`
	Files   []struct {
		Path    string `json:"path"`
		Content string `json:"content"`
	} `json:"files"`
}

// DevelopFeature runs the feature's tasks strictly in sequence order,
// committing each task's files to the working branch. A crash rerun
// skips tasks already done; a rejection rerun reprocesses all of them
// with the reviewer feedback in context.
func (h *Handlers) DevelopFeature(ctx context.Context, job domain.Job) error {
	halt, in, err := h.haltIfInactive(ctx, job.InitiativeID)
	if halt || err != nil {
		return err
	}
	f, err := h.featureFromJob(ctx, job)
	if err != nil {
		return err
	}
	switch f.Status {
	case domain.FeatureDeveloping:
	case domain.FeatureQAReview:
		// Crash replay after the QA handoff committed; only the
		// successor job is missing.
		_, _, err = h.Queue.Enqueue(ctx, domain.JobQAReview, in.ID, &f.ID, nil)
		return err
	default:
		h.logf("develop skipped: feature %s is %s", f.ID, f.Status)
		return nil
	}
	if f.BranchName == nil {
		return faults.Permanentf("feature %s has no working branch", f.ID)
	}
	var payload DevelopPayload
	if job.PayloadJSON != "" {
		if err := json.Unmarshal([]byte(job.PayloadJSON), &payload); err != nil {
			return faults.Permanentf("bad develop payload: %v", err)
		}
	}
	reprocess := payload.Mode == ModeReprocess

	tasks, err := h.Repo.ListTasks(ctx, f.ID)
	if err != nil {
		return err
	}
	var prior []string
	for _, t := range tasks {
		if !reprocess && t.Status == domain.TaskDone {
			if t.OutputJSON != nil {
				prior = append(prior, *t.OutputJSON)
			}
			continue
		}
		if halt, _, err := h.haltIfInactive(ctx, in.ID); halt || err != nil {
			return err
		}
		output, err := h.runTask(ctx, f, t, payload.Feedback, prior)
		if err != nil {
			return fmt.Errorf("task %d (%s): %w", t.Sequence, t.Title, err)
		}
		prior = append(prior, output)
		// Model calls can outlast a large fraction of the lease.
		if err := h.Queue.ExtendLease(ctx, job, leaseOwner(job)); err != nil {
			return err
		}
	}

	if _, err := h.Engine.SubmitForQA(ctx, f.ID); err != nil {
		return err
	}
	_, _, err = h.Queue.Enqueue(ctx, domain.JobQAReview, in.ID, &f.ID, nil)
	return err
}

func leaseOwner(job domain.Job) string {
	if job.LeaseOwner != nil {
		return *job.LeaseOwner
	}
	return ""
}

func (h *Handlers) runTask(ctx context.Context, f domain.Feature, t domain.Task, feedback string, prior []string) (string, error) {
	if _, err := h.Engine.SetTaskStatus(ctx, t.ID, domain.TaskDoing, nil); err != nil {
		return "", err
	}
	var b strings.Builder
	fmt.Fprintf(&b, "Feature: %s\nTask %d of type %s: %s\n\n%s\n", f.Title, t.Sequence, t.TaskType, t.Title, t.Description)
	if t.TargetPathsJSON != nil {
		fmt.Fprintf(&b, "\nTarget paths: %s\n", *t.TargetPathsJSON)
	}
	if feedback != "" {
		fmt.Fprintf(&b, "\nReviewer feedback to address:\n%s\n", feedback)
	}
	for i, p := range prior {
		if i == 0 {
			b.WriteString("\nOutputs of earlier tasks:\n")
		}
		b.WriteString(p)
		b.WriteString("\n")
	}
	resp, err := h.completeWithTools(ctx, "develop", services.CompletionRequest{
		Model:    h.Config.Agent.DeveloperModel,
		System:   developerSystem,
		Messages: []services.Message{{Role: "user", Content: b.String()}},
	})
	if err != nil {
		return "", fmt.Errorf("developer completion: %w", err)
	}
	var out developOutput
	if err := decodeModelJSON(resp.Text, &out); err != nil {
		return "", err
	}
	if len(out.Files) > 0 {
		changes := make([]services.FileChange, 0, len(out.Files))
		for _, file := range out.Files {
			changes = append(changes, services.FileChange{Path: file.Path, Content: file.Content})
		}
		msg := fmt.Sprintf("%s: %s", f.Title, t.Title)
		if err := h.Source.CommitFiles(ctx, h.Config.Pipeline.Repo, *f.BranchName, msg, changes); err != nil {
			return "", fmt.Errorf("commit files: %w", err)
		}
	}
	output, err := json.Marshal(map[string]any{"summary": out.Summary, "files": filePaths(out)})
	if err != nil {
		return "", err
	}
	s := string(output)
	if _, err := h.Engine.SetTaskStatus(ctx, t.ID, domain.TaskDone, &s); err != nil {
		return "", err
	}
	return s, nil
}

func filePaths(out developOutput) []string {
	paths := make([]string, 0, len(out.Files))
	for _, f := range out.Files {
		paths = append(paths, f.Path)
	}
	return paths
}

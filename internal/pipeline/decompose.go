package pipeline

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"shipline/internal/domain"
	"shipline/internal/engine"
	"shipline/internal/services"
)

const decomposerSystem = `You are a technical lead breaking a feature into file-level implementation tasks. Produce a JSON object:
{"tasks": [{"title": "...", "description": "...", "task_type": "implementation|test|refactor", "target_paths": ["..."]}]}
Order tasks so each compiles on top of the previous ones. An empty tasks list is valid for features needing no code change.
Reply with the JSON object only.`

type decomposeOutput struct {
	Tasks []struct {
		Title       string   `json:"title"`
		Description string   `json:"description"`
		TaskType    string   `json:"task_type"`
		TargetPaths []string `json:"target_paths"`
	} `json:"tasks"`
}

// DecomposeFeature breaks one feature into ordered tasks and prepares
// its working branch.
func (h *Handlers) DecomposeFeature(ctx context.Context, job domain.Job) error {
	halt, in, err := h.haltIfInactive(ctx, job.InitiativeID)
	if halt || err != nil {
		return err
	}
	f, err := h.featureFromJob(ctx, job)
	if err != nil {
		return err
	}
	switch f.Status {
	case domain.FeaturePending, domain.FeatureDecomposing, domain.FeatureFailed:
		// failed restarts from scratch: RecordDecomposition below
		// replaces the old tasks and branch.
	case domain.FeatureDeveloping:
		// Crash replay after decomposition committed but before the
		// develop job landed. Dedup collapses this onto a live job.
		_, _, err = h.Queue.Enqueue(ctx, domain.JobDevelopFeature, in.ID, &f.ID, DevelopPayload{})
		return err
	default:
		h.logf("decompose skipped: feature %s is %s", f.ID, f.Status)
		return nil
	}
	if _, err := h.Engine.BeginFeature(ctx, f.ID); err != nil {
		return err
	}

	repoName := h.Config.Pipeline.Repo
	base := h.Config.Pipeline.BaseBranch
	files, err := h.Source.ListFiles(ctx, repoName, base)
	if err != nil {
		return fmt.Errorf("list repo files: %w", err)
	}

	if halt, _, err := h.haltIfInactive(ctx, in.ID); halt || err != nil {
		return err
	}

	resp, err := h.complete(ctx, "decompose", services.CompletionRequest{
		Model:  h.Config.Agent.PlannerModel,
		System: decomposerSystem,
		Messages: []services.Message{{
			Role: "user",
			Content: fmt.Sprintf("Feature: %s\n\n%s\n\nAcceptance criteria:\n%s\n\nRepository layout:\n%s",
				f.Title, f.Description, acceptanceText(f), formatEntries(files)),
		}},
	})
	if err != nil {
		return fmt.Errorf("decomposer completion: %w", err)
	}
	var out decomposeOutput
	if err := decodeModelJSON(resp.Text, &out); err != nil {
		return err
	}
	drafts := make([]engine.TaskDraft, 0, len(out.Tasks))
	for _, t := range out.Tasks {
		drafts = append(drafts, engine.TaskDraft{
			Title:       strings.TrimSpace(t.Title),
			Description: t.Description,
			TaskType:    t.TaskType,
			TargetPaths: t.TargetPaths,
		})
	}

	branch := branchName(f)
	if err := h.Source.CreateBranch(ctx, repoName, branch, base); err != nil && !errors.Is(err, services.ErrBranchExists) {
		return fmt.Errorf("create branch %s: %w", branch, err)
	}
	if _, err := h.Engine.RecordDecomposition(ctx, f.ID, branch, drafts); err != nil {
		return err
	}
	h.logf("feature %s decomposed into %d tasks on %s", f.ID, len(drafts), branch)
	_, _, err = h.Queue.Enqueue(ctx, domain.JobDevelopFeature, in.ID, &f.ID, DevelopPayload{})
	return err
}

// branchName is deterministic so a replayed decomposition reuses the
// branch it already created.
func branchName(f domain.Feature) string {
	slug := strings.ToLower(f.Title)
	var b strings.Builder
	for _, r := range slug {
		switch {
		case r >= 'a' && r <= 'z', r >= '0' && r <= '9':
			b.WriteRune(r)
		case r == ' ' || r == '-' || r == '_':
			b.WriteRune('-')
		}
	}
	s := strings.Trim(b.String(), "-")
	if len(s) > 40 {
		s = s[:40]
	}
	return fmt.Sprintf("feature/%03d-%s", f.Sequence, s)
}

func acceptanceText(f domain.Feature) string {
	if f.AcceptanceJSON == nil {
		return "(none)"
	}
	return *f.AcceptanceJSON
}

package pipeline

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"shipline/internal/domain"
	"shipline/internal/engine"
	"shipline/internal/faults"
	"shipline/internal/services"
)

const plannerSystem = `You are a delivery planner. Given a product brief, produce a JSON object:
{"summary": "...", "open_questions": ["..."], "features": [{"title": "...", "description": "...", "acceptance": ["..."]}]}
Order features so each builds on the previous ones; every feature must fit in one pull request.
Ask open_questions only when the brief is genuinely insufficient to plan, and leave features empty in that case.
Reply with the JSON object only.`

type planOutput struct {
	Summary       string   `json:"summary"`
	OpenQuestions []string `json:"open_questions"`
	Features      []struct {
		Title       string   `json:"title"`
		Description string   `json:"description"`
		Acceptance  []string `json:"acceptance"`
	} `json:"features"`
}

// PlanInitiative turns an initiative brief into an ordered feature plan.
func (h *Handlers) PlanInitiative(ctx context.Context, job domain.Job) error {
	halt, in, err := h.haltIfInactive(ctx, job.InitiativeID)
	if halt || err != nil {
		return err
	}
	if in.Status.Halted() || in.Status == domain.InitiativePlanned || in.Status == domain.InitiativeInProgress {
		// Stale redelivery after planning already concluded.
		return nil
	}
	if _, err := h.Engine.MarkPlanning(ctx, in.ID); err != nil {
		return err
	}

	content, err := h.initiativeContent(ctx, in)
	if err != nil {
		return err
	}

	// Cancellation check before the expensive model call.
	if halt, _, err := h.haltIfInactive(ctx, in.ID); halt || err != nil {
		return err
	}

	resp, err := h.complete(ctx, "plan", services.CompletionRequest{
		Model:  h.Config.Agent.PlannerModel,
		System: plannerSystem,
		Messages: []services.Message{{
			Role:    "user",
			Content: fmt.Sprintf("Initiative: %s\n\nBrief:\n%s", in.Title, content),
		}},
	})
	if err != nil {
		return fmt.Errorf("planner completion: %w", err)
	}
	var out planOutput
	if err := decodeModelJSON(resp.Text, &out); err != nil {
		return err
	}

	if len(out.OpenQuestions) > 0 {
		if _, err := h.Engine.RecordNeedsInfo(ctx, in.ID, out.OpenQuestions, "system"); err != nil {
			return err
		}
		h.logf("initiative %s paused on %d open questions", in.ID, len(out.OpenQuestions))
		return nil
	}
	if len(out.Features) == 0 {
		return faults.Permanentf("planner returned no features and no questions for initiative %s", in.ID)
	}

	drafts := make([]engine.FeatureDraft, 0, len(out.Features))
	for _, f := range out.Features {
		drafts = append(drafts, engine.FeatureDraft{
			Title:       strings.TrimSpace(f.Title),
			Description: f.Description,
			Acceptance:  f.Acceptance,
		})
	}
	requireApproval := h.Config.Pipeline.RequirePlanApproval
	plan, err := h.Engine.RecordPlan(ctx, in.ID, out.Summary, resp.Text, drafts, requireApproval, "system")
	if err != nil {
		return err
	}
	h.logf("initiative %s planned: v%d with %d features", in.ID, plan.Version, plan.FeatureCount)
	if requireApproval {
		return h.notifyCheckpoint(ctx, in.ID, "initiative", in.ID, map[string]any{
			"checkpoint": "plan_review", "plan_version": plan.Version,
		})
	}
	return h.startDelivery(ctx, in.ID)
}

// startDelivery moves a planned initiative into execution and enqueues
// decomposition of its first pending feature.
func (h *Handlers) startDelivery(ctx context.Context, initiativeID string) error {
	if _, err := h.Engine.StartDelivery(ctx, initiativeID); err != nil {
		return err
	}
	next, err := h.Engine.NextPendingFeature(ctx, initiativeID)
	if err != nil {
		return err
	}
	_, _, err = h.Queue.Enqueue(ctx, domain.JobDecomposeFeature, initiativeID, &next.ID, nil)
	return err
}

func (h *Handlers) initiativeContent(ctx context.Context, in domain.Initiative) (string, error) {
	if in.SourceDocumentID != nil && *in.SourceDocumentID != "" {
		doc, err := h.Importer.Fetch(ctx, *in.SourceDocumentID)
		if err != nil {
			return "", fmt.Errorf("import document %s: %w", *in.SourceDocumentID, err)
		}
		return flattenDocument(doc), nil
	}
	if in.ContentJSON != nil && strings.TrimSpace(*in.ContentJSON) != "" {
		return *in.ContentJSON, nil
	}
	return "", faults.Permanentf("no source content available for direct-entry initiative %s", in.ID)
}

func flattenDocument(doc services.Document) string {
	var b strings.Builder
	b.WriteString(doc.Title)
	b.WriteString("\n")
	keys := make([]string, 0, len(doc.Fields))
	for k := range doc.Fields {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		fmt.Fprintf(&b, "\n%s:\n%s\n", k, doc.Fields[k])
	}
	return b.String()
}

func (h *Handlers) notifyCheckpoint(ctx context.Context, initiativeID, entityKind, entityID string, payload map[string]any) error {
	return h.Engine.NoteEvent(ctx, "checkpoint.awaiting_human", initiativeID, entityKind, entityID, "system", payload)
}

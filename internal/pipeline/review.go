package pipeline

import (
	"context"
	"fmt"
	"strings"

	"shipline/internal/domain"
	"shipline/internal/faults"
	"shipline/internal/services"
)

const reviewerSystem = `You are a strict code reviewer. Given a feature's acceptance criteria and its diff against the base branch, produce a JSON object:
{"verdict": "approve" | "reject", "feedback": "..."}
feedback is required for a reject and must be concrete enough for a developer to act on. Reply with the JSON object only.`

type reviewOutput struct {
	Verdict  string `json:"verdict"`
	Feedback string `json:"feedback"`
}

// QAReview has the reviewer model judge the feature's diff. Approval
// opens the pull request and parks the feature at the human checkpoint;
// rejection sends it back to development until the retry budget runs
// out.
func (h *Handlers) QAReview(ctx context.Context, job domain.Job) error {
	halt, in, err := h.haltIfInactive(ctx, job.InitiativeID)
	if halt || err != nil {
		return err
	}
	f, err := h.featureFromJob(ctx, job)
	if err != nil {
		return err
	}
	switch f.Status {
	case domain.FeatureQAReview:
	case domain.FeatureHumanReview:
		// Crash replay after approval committed; only the notify job
		// is missing.
		_, _, err = h.Queue.Enqueue(ctx, domain.JobNotifyHuman, in.ID, &f.ID, nil)
		return err
	case domain.FeatureDeveloping:
		// Crash replay after a rejection's rework began. The stored
		// feedback rides along again.
		payload := DevelopPayload{Mode: ModeReprocess}
		if f.RejectionFeedback != nil {
			payload.Feedback = *f.RejectionFeedback
		}
		_, _, err = h.Queue.Enqueue(ctx, domain.JobDevelopFeature, in.ID, &f.ID, payload)
		return err
	default:
		h.logf("qa skipped: feature %s is %s", f.ID, f.Status)
		return nil
	}
	if f.BranchName == nil {
		return faults.Permanentf("feature %s has no working branch", f.ID)
	}

	repoName := h.Config.Pipeline.Repo
	base := h.Config.Pipeline.BaseBranch
	diff, err := h.Source.Diff(ctx, repoName, base, *f.BranchName)
	if err != nil {
		return fmt.Errorf("diff %s..%s: %w", base, *f.BranchName, err)
	}

	if halt, _, err := h.haltIfInactive(ctx, in.ID); halt || err != nil {
		return err
	}

	resp, err := h.complete(ctx, "qa_review", services.CompletionRequest{
		Model:  h.Config.Agent.ReviewerModel,
		System: reviewerSystem,
		Messages: []services.Message{{
			Role: "user",
			Content: fmt.Sprintf("Feature: %s\n\n%s\n\nAcceptance criteria:\n%s\n\nDiff:\n%s",
				f.Title, f.Description, acceptanceText(f), diff),
		}},
	})
	if err != nil {
		return fmt.Errorf("reviewer completion: %w", err)
	}
	var out reviewOutput
	if err := decodeModelJSON(resp.Text, &out); err != nil {
		return err
	}

	switch strings.ToLower(out.Verdict) {
	case "approve":
		return h.approveQA(ctx, in, f)
	case "reject":
		return h.rejectQA(ctx, in, f, out.Feedback)
	}
	return fmt.Errorf("reviewer returned unknown verdict %q", out.Verdict)
}

func (h *Handlers) approveQA(ctx context.Context, in domain.Initiative, f domain.Feature) error {
	pr, err := h.Source.OpenPR(ctx, h.Config.Pipeline.Repo, *f.BranchName, h.Config.Pipeline.BaseBranch,
		f.Title, f.Description)
	if err != nil {
		return fmt.Errorf("open pull request: %w", err)
	}
	if _, err := h.Engine.RecordQAPass(ctx, f.ID, pr.Number, pr.URL); err != nil {
		return err
	}
	h.logf("feature %s approved by qa, pr #%d awaiting human review", f.ID, pr.Number)
	_, _, err = h.Queue.Enqueue(ctx, domain.JobNotifyHuman, in.ID, &f.ID, nil)
	return err
}

func (h *Handlers) rejectQA(ctx context.Context, in domain.Initiative, f domain.Feature, feedback string) error {
	if strings.TrimSpace(feedback) == "" {
		feedback = "reviewer rejected the change without feedback"
	}
	_, retry, err := h.Engine.RecordQARejection(ctx, f.ID, feedback, h.Config.Pipeline.MaxRejectionRetries)
	if err != nil {
		return err
	}
	if !retry {
		return faults.Permanentf("feature %s exhausted its rejection budget: %s", f.ID, feedback)
	}
	if _, err := h.Engine.BeginRework(ctx, f.ID); err != nil {
		return err
	}
	h.logf("feature %s rejected by qa, rework round %d", f.ID, f.RetryCount+1)
	_, _, err = h.Queue.Enqueue(ctx, domain.JobDevelopFeature, in.ID, &f.ID, DevelopPayload{
		Mode:     ModeReprocess,
		Feedback: feedback,
	})
	return err
}

// NotifyHuman records that the pipeline paused for a human decision.
// Delivery to the outside happens through the webhook dispatcher
// tailing the journal; this stage only writes the marker event.
func (h *Handlers) NotifyHuman(ctx context.Context, job domain.Job) error {
	halt, in, err := h.haltIfInactive(ctx, job.InitiativeID)
	if halt || err != nil {
		return err
	}
	f, err := h.featureFromJob(ctx, job)
	if err != nil {
		return err
	}
	if f.Status != domain.FeatureHumanReview {
		h.logf("notify skipped: feature %s is %s", f.ID, f.Status)
		return nil
	}
	payload := map[string]any{"checkpoint": "feature_review", "feature_title": f.Title}
	if f.PRURL != nil {
		payload["pr_url"] = *f.PRURL
	}
	return h.Engine.NoteEvent(ctx, "feature.awaiting_review", in.ID, "feature", f.ID, "system", payload)
}

package pipeline

import (
	"context"
	"fmt"
	"strings"

	"shipline/internal/domain"
	"shipline/internal/faults"
	"shipline/internal/repo"
)

// MergeFeature merges the approved pull request and schedules the next
// feature, keeping exactly one feature in flight per initiative.
func (h *Handlers) MergeFeature(ctx context.Context, job domain.Job) error {
	halt, in, err := h.haltIfInactive(ctx, job.InitiativeID)
	if halt || err != nil {
		return err
	}
	f, err := h.featureFromJob(ctx, job)
	if err != nil {
		return err
	}
	switch f.Status {
	case domain.FeatureApproved:
		if _, err := h.Engine.BeginMerge(ctx, f.ID); err != nil {
			return err
		}
	case domain.FeatureMerging:
		// Crash replay; the merge below is retried.
	case domain.FeatureMerged:
		// Crash replay after the merge landed; only scheduling remains.
		return h.scheduleNext(ctx, in.ID)
	default:
		h.logf("merge skipped: feature %s is %s", f.ID, f.Status)
		return nil
	}
	if f.PRNumber == nil {
		return faults.Permanentf("feature %s has no pull request to merge", f.ID)
	}
	if err := h.Source.MergePR(ctx, h.Config.Pipeline.Repo, *f.PRNumber); err != nil {
		// A replayed merge may find the PR already landed.
		if !strings.Contains(strings.ToLower(err.Error()), "already merged") {
			return fmt.Errorf("merge pr #%d: %w", *f.PRNumber, err)
		}
	}
	if _, err := h.Engine.RecordMerge(ctx, f.ID); err != nil {
		return err
	}
	h.logf("feature %s merged (pr #%d)", f.ID, *f.PRNumber)
	return h.scheduleNext(ctx, in.ID)
}

// scheduleNext enqueues decomposition of the next pending feature, or
// initiative completion when every feature left the pending state.
func (h *Handlers) scheduleNext(ctx context.Context, initiativeID string) error {
	next, err := h.Engine.NextPendingFeature(ctx, initiativeID)
	if err == repo.ErrNotFound {
		_, _, err = h.Queue.Enqueue(ctx, domain.JobCompleteInitiative, initiativeID, nil, nil)
		return err
	}
	if err != nil {
		return err
	}
	_, _, err = h.Queue.Enqueue(ctx, domain.JobDecomposeFeature, initiativeID, &next.ID, nil)
	return err
}

// CompleteInitiative closes the initiative once every feature merged.
// The engine refuses completion while anything is still in flight; that
// error stays transient so the job retries after the stragglers settle.
func (h *Handlers) CompleteInitiative(ctx context.Context, job domain.Job) error {
	halt, in, err := h.haltIfInactive(ctx, job.InitiativeID)
	if halt || err != nil {
		return err
	}
	summary, err := h.Engine.CompleteInitiative(ctx, in.ID)
	if err != nil {
		return err
	}
	h.logf("initiative %s completed: %d features, %d tasks, %d rejection rounds",
		in.ID, summary.FeaturesMerged, summary.TasksCompleted, summary.RejectionRounds)
	return nil
}

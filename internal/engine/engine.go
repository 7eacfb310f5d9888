// Package engine owns every state transition of the delivery entities.
// Each operation runs in its own transaction and journals an event in
// the same transaction, so the event log never disagrees with the rows.
package engine

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"shipline/internal/config"
	"shipline/internal/domain"
	"shipline/internal/events"
	"shipline/internal/repo"
)

type Engine struct {
	DB     *sql.DB
	Repo   repo.Repo
	Events events.Writer
	Config *config.Config
	Now    func() time.Time
}

func New(db *sql.DB, cfg *config.Config) Engine {
	return Engine{
		DB:     db,
		Repo:   repo.Repo{DB: db},
		Events: events.Writer{DB: db},
		Config: cfg,
		Now:    time.Now,
	}
}

func (e Engine) now() time.Time {
	if e.Now != nil {
		return e.Now()
	}
	return time.Now()
}

func (e Engine) stamp() string {
	return e.now().UTC().Format(time.RFC3339)
}

// InitiativeCreateOptions are parameters for registering a delivery
// request.
type InitiativeCreateOptions struct {
	ID               string
	Title            string
	Content          string
	SourceDocumentID string
	Metadata         map[string]string
	ActorID          string
}

func (e Engine) CreateInitiative(ctx context.Context, opts InitiativeCreateOptions) (domain.Initiative, error) {
	if strings.TrimSpace(opts.Title) == "" {
		return domain.Initiative{}, errors.New("title is required")
	}
	if strings.TrimSpace(opts.Content) == "" && opts.SourceDocumentID == "" {
		return domain.Initiative{}, errors.New("content or source document is required")
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Initiative{}, err
	}
	defer tx.Rollback()

	id := opts.ID
	ts := e.stamp()
	if id == "" {
		id = uuid.NewString()
	}
	in := domain.Initiative{
		ID:        id,
		Title:     strings.TrimSpace(opts.Title),
		Status:    domain.InitiativePending,
		Metadata:  opts.Metadata,
		CreatedAt: ts,
		UpdatedAt: ts,
	}
	if opts.Content != "" {
		in.ContentJSON = &opts.Content
	}
	if opts.SourceDocumentID != "" {
		in.SourceDocumentID = &opts.SourceDocumentID
	}
	if err := e.Repo.InsertInitiativeTx(ctx, tx, in); err != nil {
		return domain.Initiative{}, fmt.Errorf("insert initiative: %w", err)
	}
	if err := e.Events.Append(ctx, tx, "initiative.created", in.ID, "initiative", in.ID, opts.ActorID, events.EventPayload{
		"title": in.Title,
	}); err != nil {
		return domain.Initiative{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.Initiative{}, err
	}
	return in, nil
}

// MarkPlanning moves an initiative into planning. Re-running is a no-op
// so a replayed planning job does not trip the transition check.
func (e Engine) MarkPlanning(ctx context.Context, id string) (domain.Initiative, error) {
	return e.transitionInitiative(ctx, id, domain.InitiativePlanning, nil, "system", func(old domain.InitiativeStatus) error {
		if old == domain.InitiativePending || old == domain.InitiativePlanning {
			return nil
		}
		return transitionErr("initiative", string(old), string(domain.InitiativePlanning))
	})
}

// FeatureDraft is one planner-proposed feature before persistence.
type FeatureDraft struct {
	Title       string
	Description string
	Acceptance  []string
}

// RecordPlan persists the planner output: a new active plan version, its
// features in delivery order, and the initiative status that follows
// from the approval policy.
func (e Engine) RecordPlan(ctx context.Context, initiativeID, summary, rawJSON string, drafts []FeatureDraft, requireApproval bool, actorID string) (domain.Plan, error) {
	if len(drafts) == 0 {
		return domain.Plan{}, errors.New("plan has no features")
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Plan{}, err
	}
	defer tx.Rollback()

	in, err := e.Repo.GetInitiativeTx(ctx, tx, initiativeID)
	if err != nil {
		return domain.Plan{}, err
	}
	if in.Status != domain.InitiativePlanning {
		return domain.Plan{}, transitionErr("initiative", string(in.Status), "planned")
	}
	version, err := e.Repo.NextPlanVersionTx(ctx, tx, initiativeID)
	if err != nil {
		return domain.Plan{}, err
	}
	ts := e.stamp()
	plan := domain.Plan{
		ID:           uuid.NewString(),
		InitiativeID: initiativeID,
		Version:      version,
		Summary:      summary,
		RawJSON:      rawJSON,
		FeatureCount: len(drafts),
		IsActive:     true,
		CreatedAt:    ts,
	}
	if err := e.Repo.InsertPlanTx(ctx, tx, plan); err != nil {
		return domain.Plan{}, fmt.Errorf("insert plan: %w", err)
	}
	for i, d := range drafts {
		if strings.TrimSpace(d.Title) == "" {
			return domain.Plan{}, fmt.Errorf("feature %d has no title", i+1)
		}
		f := domain.Feature{
			ID:           uuid.NewSHA1(uuid.NameSpaceOID, []byte(plan.ID+"|feature|"+fmt.Sprint(i))).String(),
			PlanID:       plan.ID,
			InitiativeID: initiativeID,
			Sequence:     i + 1,
			Title:        d.Title,
			Description:  d.Description,
			Status:       domain.FeaturePending,
			CreatedAt:    ts,
			UpdatedAt:    ts,
		}
		if len(d.Acceptance) > 0 {
			b, err := json.Marshal(d.Acceptance)
			if err != nil {
				return domain.Plan{}, fmt.Errorf("marshal acceptance: %w", err)
			}
			s := string(b)
			f.AcceptanceJSON = &s
		}
		if err := e.Repo.InsertFeatureTx(ctx, tx, f); err != nil {
			return domain.Plan{}, fmt.Errorf("insert feature: %w", err)
		}
	}
	next := domain.InitiativePlanned
	if requireApproval {
		next = domain.InitiativePlanReview
	}
	if err := e.Repo.UpdateInitiativeStatusTx(ctx, tx, initiativeID, next, nil, ts); err != nil {
		return domain.Plan{}, err
	}
	if err := e.Events.Append(ctx, tx, "plan.recorded", initiativeID, "plan", plan.ID, actorID, events.EventPayload{
		"version": version, "feature_count": len(drafts), "initiative_status": string(next),
	}); err != nil {
		return domain.Plan{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.Plan{}, err
	}
	return plan, nil
}

// RecordNeedsInfo pauses planning on open questions from the planner.
// The questions land in initiative metadata so the status endpoint can
// surface them.
func (e Engine) RecordNeedsInfo(ctx context.Context, initiativeID string, questions []string, actorID string) (domain.Initiative, error) {
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Initiative{}, err
	}
	defer tx.Rollback()

	in, err := e.Repo.GetInitiativeTx(ctx, tx, initiativeID)
	if err != nil {
		return domain.Initiative{}, err
	}
	if in.Status != domain.InitiativePlanning {
		return domain.Initiative{}, transitionErr("initiative", string(in.Status), string(domain.InitiativeNeedsInfo))
	}
	ts := e.stamp()
	if in.Metadata == nil {
		in.Metadata = map[string]string{}
	}
	b, err := json.Marshal(questions)
	if err != nil {
		return domain.Initiative{}, fmt.Errorf("marshal questions: %w", err)
	}
	in.Metadata["open_questions"] = string(b)
	if err := e.Repo.UpdateInitiativeMetadataTx(ctx, tx, initiativeID, in.Metadata, ts); err != nil {
		return domain.Initiative{}, err
	}
	if err := e.Repo.UpdateInitiativeStatusTx(ctx, tx, initiativeID, domain.InitiativeNeedsInfo, nil, ts); err != nil {
		return domain.Initiative{}, err
	}
	if err := e.Events.Append(ctx, tx, "initiative.needs_info", initiativeID, "initiative", initiativeID, actorID, events.EventPayload{
		"questions": questions,
	}); err != nil {
		return domain.Initiative{}, err
	}
	in.Status = domain.InitiativeNeedsInfo
	in.UpdatedAt = ts
	return in, tx.Commit()
}

// SubmitContext answers the planner's open questions. The extra context
// is appended to the initiative content and planning becomes eligible
// again.
func (e Engine) SubmitContext(ctx context.Context, initiativeID, content, actorID string) (domain.Initiative, error) {
	if strings.TrimSpace(content) == "" {
		return domain.Initiative{}, errors.New("content is required")
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Initiative{}, err
	}
	defer tx.Rollback()

	in, err := e.Repo.GetInitiativeTx(ctx, tx, initiativeID)
	if err != nil {
		return domain.Initiative{}, err
	}
	if in.Status != domain.InitiativeNeedsInfo {
		return domain.Initiative{}, transitionErr("initiative", string(in.Status), string(domain.InitiativePending))
	}
	merged := content
	if in.ContentJSON != nil && *in.ContentJSON != "" {
		merged = *in.ContentJSON + "\n\n" + content
	}
	ts := e.stamp()
	if err := e.Repo.UpdateInitiativeContentTx(ctx, tx, initiativeID, &merged, ts); err != nil {
		return domain.Initiative{}, err
	}
	if in.Metadata != nil {
		delete(in.Metadata, "open_questions")
		if err := e.Repo.UpdateInitiativeMetadataTx(ctx, tx, initiativeID, in.Metadata, ts); err != nil {
			return domain.Initiative{}, err
		}
	}
	if err := e.Repo.UpdateInitiativeStatusTx(ctx, tx, initiativeID, domain.InitiativePending, nil, ts); err != nil {
		return domain.Initiative{}, err
	}
	if err := e.Events.Append(ctx, tx, "initiative.context_submitted", initiativeID, "initiative", initiativeID, actorID, nil); err != nil {
		return domain.Initiative{}, err
	}
	in.ContentJSON = &merged
	in.Status = domain.InitiativePending
	in.UpdatedAt = ts
	return in, tx.Commit()
}

// ApprovePlan releases a plan held for human review.
func (e Engine) ApprovePlan(ctx context.Context, initiativeID, actorID string) (domain.Initiative, error) {
	return e.transitionInitiative(ctx, initiativeID, domain.InitiativePlanned, nil, actorID, func(old domain.InitiativeStatus) error {
		if old == domain.InitiativePlanReview {
			return nil
		}
		return transitionErr("initiative", string(old), string(domain.InitiativePlanned))
	})
}

// StartDelivery moves an approved initiative into execution.
func (e Engine) StartDelivery(ctx context.Context, initiativeID string) (domain.Initiative, error) {
	return e.transitionInitiative(ctx, initiativeID, domain.InitiativeInProgress, nil, "system", func(old domain.InitiativeStatus) error {
		if old == domain.InitiativePlanned || old == domain.InitiativeInProgress {
			return nil
		}
		return transitionErr("initiative", string(old), string(domain.InitiativeInProgress))
	})
}

// CancelInitiative stops an initiative from any non-terminal state. Any
// feature mid-flight is failed so it releases its pipeline slot.
func (e Engine) CancelInitiative(ctx context.Context, initiativeID, actorID string) (domain.Initiative, error) {
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Initiative{}, err
	}
	defer tx.Rollback()

	in, err := e.Repo.GetInitiativeTx(ctx, tx, initiativeID)
	if err != nil {
		return domain.Initiative{}, err
	}
	if in.Status.Terminal() {
		return domain.Initiative{}, fmt.Errorf("initiative %s already %s", initiativeID, in.Status)
	}
	ts := e.stamp()
	if err := e.failInFlightFeaturesTx(ctx, tx, in, "initiative cancelled", ts); err != nil {
		return domain.Initiative{}, err
	}
	if err := e.Repo.UpdateInitiativeStatusTx(ctx, tx, initiativeID, domain.InitiativeCancelled, nil, ts); err != nil {
		return domain.Initiative{}, err
	}
	if err := e.Events.Append(ctx, tx, "initiative.cancelled", initiativeID, "initiative", initiativeID, actorID, events.EventPayload{
		"was": string(in.Status),
	}); err != nil {
		return domain.Initiative{}, err
	}
	in.Status = domain.InitiativeCancelled
	in.UpdatedAt = ts
	return in, tx.Commit()
}

// MarkInitiativeFailed is the terminal failure path taken when a job
// dead-letters or a feature exhausts its rejection budget.
func (e Engine) MarkInitiativeFailed(ctx context.Context, initiativeID, reason string) (domain.Initiative, error) {
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Initiative{}, err
	}
	defer tx.Rollback()

	in, err := e.Repo.GetInitiativeTx(ctx, tx, initiativeID)
	if err != nil {
		return domain.Initiative{}, err
	}
	if in.Status.Terminal() {
		// Terminal states never regress, not even to failed.
		return in, nil
	}
	ts := e.stamp()
	if err := e.failInFlightFeaturesTx(ctx, tx, in, reason, ts); err != nil {
		return domain.Initiative{}, err
	}
	if err := e.Repo.UpdateInitiativeStatusTx(ctx, tx, initiativeID, domain.InitiativeFailed, &reason, ts); err != nil {
		return domain.Initiative{}, err
	}
	if err := e.Events.Append(ctx, tx, "initiative.failed", initiativeID, "initiative", initiativeID, "system", events.EventPayload{
		"reason": reason,
	}); err != nil {
		return domain.Initiative{}, err
	}
	in.Status = domain.InitiativeFailed
	in.ErrorMessage = &reason
	in.UpdatedAt = ts
	return in, tx.Commit()
}

func (e Engine) failInFlightFeaturesTx(ctx context.Context, tx *sql.Tx, in domain.Initiative, reason string, ts string) error {
	plan, err := activePlanTx(ctx, tx, in.ID)
	if err == repo.ErrNotFound {
		return nil
	}
	if err != nil {
		return err
	}
	features, err := e.Repo.ListFeaturesTx(ctx, tx, plan.ID)
	if err != nil {
		return err
	}
	for _, f := range features {
		if f.Status.AtRest() {
			continue
		}
		f.Status = domain.FeatureFailed
		f.RejectionFeedback = &reason
		f.UpdatedAt = ts
		if err := e.Repo.UpdateFeatureTx(ctx, tx, f); err != nil {
			return err
		}
		if err := e.Repo.FailInFlightTasksTx(ctx, tx, f.ID, ts); err != nil {
			return err
		}
		if err := e.Events.Append(ctx, tx, "feature.failed", in.ID, "feature", f.ID, "system", events.EventPayload{
			"reason": reason,
		}); err != nil {
			return err
		}
	}
	return nil
}

func activePlanTx(ctx context.Context, tx *sql.Tx, initiativeID string) (domain.Plan, error) {
	var p domain.Plan
	var raw sql.NullString
	err := tx.QueryRowContext(ctx, `SELECT id,initiative_id,version,summary,raw_json,feature_count,is_active,created_at FROM plans WHERE initiative_id=? AND is_active=1`, initiativeID).
		Scan(&p.ID, &p.InitiativeID, &p.Version, &p.Summary, &raw, &p.FeatureCount, &p.IsActive, &p.CreatedAt)
	if err == sql.ErrNoRows {
		return p, repo.ErrNotFound
	}
	if raw.Valid {
		p.RawJSON = raw.String
	}
	return p, err
}

func (e Engine) transitionInitiative(ctx context.Context, id string, next domain.InitiativeStatus, errMsg *string, actorID string, check func(domain.InitiativeStatus) error) (domain.Initiative, error) {
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Initiative{}, err
	}
	defer tx.Rollback()

	in, err := e.Repo.GetInitiativeTx(ctx, tx, id)
	if err != nil {
		return domain.Initiative{}, err
	}
	if in.Status == next {
		return in, nil
	}
	if err := check(in.Status); err != nil {
		return domain.Initiative{}, err
	}
	ts := e.stamp()
	if err := e.Repo.UpdateInitiativeStatusTx(ctx, tx, id, next, errMsg, ts); err != nil {
		return domain.Initiative{}, err
	}
	if err := e.Events.Append(ctx, tx, "initiative."+string(next), id, "initiative", id, actorID, events.EventPayload{
		"was": string(in.Status),
	}); err != nil {
		return domain.Initiative{}, err
	}
	in.Status = next
	in.ErrorMessage = errMsg
	in.UpdatedAt = ts
	return in, tx.Commit()
}

// NoteEvent journals a standalone event with no row change, used for
// checkpoint markers the webhook dispatcher fans out.
func (e Engine) NoteEvent(ctx context.Context, evtType, initiativeID, entityKind, entityID, actorID string, payload events.EventPayload) error {
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	if err := e.Events.Append(ctx, tx, evtType, initiativeID, entityKind, entityID, actorID, payload); err != nil {
		return err
	}
	return tx.Commit()
}

func transitionErr(entity, old, next string) error {
	return fmt.Errorf("invalid %s status transition %s -> %s", entity, old, next)
}

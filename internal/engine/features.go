package engine

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"

	"shipline/internal/domain"
	"shipline/internal/events"
	"shipline/internal/repo"
)

func ensureFeatureTransition(old, next domain.FeatureStatus) error {
	switch old {
	case domain.FeaturePending:
		if next == domain.FeatureDecomposing || next == domain.FeatureFailed {
			return nil
		}
	case domain.FeatureDecomposing:
		if next == domain.FeatureDeveloping || next == domain.FeatureFailed {
			return nil
		}
	case domain.FeatureDeveloping:
		if next == domain.FeatureQAReview || next == domain.FeatureFailed {
			return nil
		}
	case domain.FeatureQAReview:
		if next == domain.FeatureHumanReview || next == domain.FeatureDeveloping || next == domain.FeatureFailed {
			return nil
		}
	case domain.FeatureHumanReview:
		if next == domain.FeatureApproved || next == domain.FeatureRejected || next == domain.FeatureFailed {
			return nil
		}
	case domain.FeatureRejected:
		if next == domain.FeatureDeveloping || next == domain.FeatureFailed {
			return nil
		}
	case domain.FeatureApproved:
		if next == domain.FeatureMerging || next == domain.FeatureFailed {
			return nil
		}
	case domain.FeatureMerging:
		if next == domain.FeatureMerged || next == domain.FeatureFailed {
			return nil
		}
	case domain.FeatureFailed:
		// A failed feature may be restarted from decomposition.
		if next == domain.FeatureDecomposing {
			return nil
		}
	}
	return transitionErr("feature", string(old), string(next))
}

// BeginFeature claims the next pipeline slot for a pending feature.
// Re-running against a feature already decomposing is a no-op.
func (e Engine) BeginFeature(ctx context.Context, featureID string) (domain.Feature, error) {
	return e.transitionFeature(ctx, featureID, domain.FeatureDecomposing, "system", nil)
}

// TaskDraft is one decomposer-proposed task before persistence.
type TaskDraft struct {
	Title       string
	Description string
	TaskType    string
	TargetPaths []string
}

// RecordDecomposition replaces the feature's tasks with the decomposer
// output, stores the working branch, and moves the feature into
// development. A replayed decomposition overwrites its previous tasks
// rather than appending to them.
func (e Engine) RecordDecomposition(ctx context.Context, featureID, branchName string, drafts []TaskDraft) (domain.Feature, error) {
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Feature{}, err
	}
	defer tx.Rollback()

	f, err := e.Repo.GetFeatureTx(ctx, tx, featureID)
	if err != nil {
		return domain.Feature{}, err
	}
	if err := ensureFeatureTransition(f.Status, domain.FeatureDeveloping); err != nil {
		return domain.Feature{}, err
	}
	ts := e.stamp()
	if err := e.Repo.DeleteTasksTx(ctx, tx, featureID); err != nil {
		return domain.Feature{}, err
	}
	for i, d := range drafts {
		if strings.TrimSpace(d.Title) == "" {
			return domain.Feature{}, fmt.Errorf("task %d has no title", i+1)
		}
		taskType := d.TaskType
		if taskType == "" {
			taskType = "implementation"
		}
		t := domain.Task{
			ID:          uuid.NewSHA1(uuid.NameSpaceOID, []byte(featureID+"|task|"+fmt.Sprint(i))).String(),
			FeatureID:   featureID,
			Sequence:    i + 1,
			Title:       d.Title,
			Description: d.Description,
			TaskType:    taskType,
			Status:      domain.TaskToDo,
			CreatedAt:   ts,
			UpdatedAt:   ts,
		}
		if len(d.TargetPaths) > 0 {
			b, err := json.Marshal(d.TargetPaths)
			if err != nil {
				return domain.Feature{}, fmt.Errorf("marshal target paths: %w", err)
			}
			s := string(b)
			t.TargetPathsJSON = &s
		}
		if err := e.Repo.InsertTaskTx(ctx, tx, t); err != nil {
			return domain.Feature{}, fmt.Errorf("insert task: %w", err)
		}
	}
	f.BranchName = &branchName
	f.Status = domain.FeatureDeveloping
	// A restart after failure begins with a clean review slate.
	f.PRNumber = nil
	f.PRURL = nil
	f.RejectionFeedback = nil
	f.RetryCount = 0
	f.UpdatedAt = ts
	if err := e.Repo.UpdateFeatureTx(ctx, tx, f); err != nil {
		return domain.Feature{}, err
	}
	if err := e.Events.Append(ctx, tx, "feature.decomposed", f.InitiativeID, "feature", f.ID, "system", events.EventPayload{
		"task_count": len(drafts), "branch": branchName,
	}); err != nil {
		return domain.Feature{}, err
	}
	return f, tx.Commit()
}

// SetTaskStatus records task progress during development.
func (e Engine) SetTaskStatus(ctx context.Context, taskID string, status domain.TaskStatus, outputJSON *string) (domain.Task, error) {
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Task{}, err
	}
	defer tx.Rollback()

	row := tx.QueryRowContext(ctx, `SELECT id,feature_id,sequence,title,description,task_type,target_paths_json,status,output_json,created_at,updated_at FROM tasks WHERE id=?`, taskID)
	t, err := scanTaskRow(row)
	if err != nil {
		return domain.Task{}, err
	}
	t.Status = status
	if outputJSON != nil {
		t.OutputJSON = outputJSON
	}
	t.UpdatedAt = e.stamp()
	if err := e.Repo.UpdateTaskTx(ctx, tx, t); err != nil {
		return domain.Task{}, err
	}
	return t, tx.Commit()
}

func scanTaskRow(row *sql.Row) (domain.Task, error) {
	var t domain.Task
	var desc, targets, output sql.NullString
	err := row.Scan(&t.ID, &t.FeatureID, &t.Sequence, &t.Title, &desc, &t.TaskType, &targets, &t.Status, &output, &t.CreatedAt, &t.UpdatedAt)
	if err == sql.ErrNoRows {
		return t, repo.ErrNotFound
	}
	if err != nil {
		return t, err
	}
	t.Description = desc.String
	if targets.Valid {
		t.TargetPathsJSON = &targets.String
	}
	if output.Valid {
		t.OutputJSON = &output.String
	}
	return t, nil
}

// SubmitForQA hands a developed feature to the automated reviewer.
func (e Engine) SubmitForQA(ctx context.Context, featureID string) (domain.Feature, error) {
	return e.transitionFeature(ctx, featureID, domain.FeatureQAReview, "system", nil)
}

// RecordQAPass stores the opened pull request and moves a QA-approved
// feature to the human checkpoint.
func (e Engine) RecordQAPass(ctx context.Context, featureID string, prNumber int, prURL string) (domain.Feature, error) {
	return e.transitionFeature(ctx, featureID, domain.FeatureHumanReview, "system", func(f *domain.Feature) {
		f.PRNumber = &prNumber
		f.PRURL = &prURL
	})
}

// RecordQARejection sends a feature back to development with reviewer
// feedback, consuming one unit of the rejection budget. When the budget
// is spent the feature fails instead and the caller must fail the
// initiative.
func (e Engine) RecordQARejection(ctx context.Context, featureID, feedback string, maxRetries int) (domain.Feature, bool, error) {
	return e.rejectFeature(ctx, featureID, feedback, maxRetries, "qa")
}

// ApproveFeature accepts a feature at the human checkpoint.
func (e Engine) ApproveFeature(ctx context.Context, featureID, actorID string) (domain.Feature, error) {
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Feature{}, err
	}
	defer tx.Rollback()

	f, err := e.Repo.GetFeatureTx(ctx, tx, featureID)
	if err != nil {
		return domain.Feature{}, err
	}
	if err := ensureFeatureTransition(f.Status, domain.FeatureApproved); err != nil {
		return domain.Feature{}, err
	}
	in, err := e.Repo.GetInitiativeTx(ctx, tx, f.InitiativeID)
	if err != nil {
		return domain.Feature{}, err
	}
	if in.Status.Terminal() {
		return domain.Feature{}, fmt.Errorf("initiative %s is %s", in.ID, in.Status)
	}
	ts := e.stamp()
	f.Status = domain.FeatureApproved
	f.UpdatedAt = ts
	if err := e.Repo.UpdateFeatureTx(ctx, tx, f); err != nil {
		return domain.Feature{}, err
	}
	if err := e.Events.Append(ctx, tx, "feature.approved", f.InitiativeID, "feature", f.ID, actorID, nil); err != nil {
		return domain.Feature{}, err
	}
	return f, tx.Commit()
}

// RejectFeature rejects a feature at the human checkpoint with feedback.
// The second return reports whether a retry round is allowed.
func (e Engine) RejectFeature(ctx context.Context, featureID, feedback, actorID string, maxRetries int) (domain.Feature, bool, error) {
	if strings.TrimSpace(feedback) == "" {
		return domain.Feature{}, false, errors.New("rejection feedback is required")
	}
	return e.rejectFeature(ctx, featureID, feedback, maxRetries, actorID)
}

func (e Engine) rejectFeature(ctx context.Context, featureID, feedback string, maxRetries int, actorID string) (domain.Feature, bool, error) {
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Feature{}, false, err
	}
	defer tx.Rollback()

	f, err := e.Repo.GetFeatureTx(ctx, tx, featureID)
	if err != nil {
		return domain.Feature{}, false, err
	}
	if f.Status != domain.FeatureQAReview && f.Status != domain.FeatureHumanReview {
		return domain.Feature{}, false, transitionErr("feature", string(f.Status), string(domain.FeatureRejected))
	}
	ts := e.stamp()
	f.RetryCount++
	f.RejectionFeedback = &feedback
	retry := f.RetryCount <= maxRetries
	if retry {
		f.Status = domain.FeatureRejected
	} else {
		f.Status = domain.FeatureFailed
	}
	f.UpdatedAt = ts
	if err := e.Repo.UpdateFeatureTx(ctx, tx, f); err != nil {
		return domain.Feature{}, false, err
	}
	evt := "feature.rejected"
	if !retry {
		evt = "feature.failed"
	}
	if err := e.Events.Append(ctx, tx, evt, f.InitiativeID, "feature", f.ID, actorID, events.EventPayload{
		"feedback": feedback, "retry_count": f.RetryCount, "retry_allowed": retry,
	}); err != nil {
		return domain.Feature{}, false, err
	}
	return f, retry, tx.Commit()
}

// BeginRework moves a rejected feature back into development for another
// round.
func (e Engine) BeginRework(ctx context.Context, featureID string) (domain.Feature, error) {
	return e.transitionFeature(ctx, featureID, domain.FeatureDeveloping, "system", nil)
}

// BeginMerge claims an approved feature for merging.
func (e Engine) BeginMerge(ctx context.Context, featureID string) (domain.Feature, error) {
	return e.transitionFeature(ctx, featureID, domain.FeatureMerging, "system", nil)
}

// RecordMerge finishes a feature after its pull request merged.
func (e Engine) RecordMerge(ctx context.Context, featureID string) (domain.Feature, error) {
	return e.transitionFeature(ctx, featureID, domain.FeatureMerged, "system", nil)
}

// MarkFeatureFailed fails one feature without touching its initiative.
func (e Engine) MarkFeatureFailed(ctx context.Context, featureID, reason string) (domain.Feature, error) {
	return e.transitionFeature(ctx, featureID, domain.FeatureFailed, "system", func(f *domain.Feature) {
		f.RejectionFeedback = &reason
	})
}

func (e Engine) transitionFeature(ctx context.Context, featureID string, next domain.FeatureStatus, actorID string, mutate func(*domain.Feature)) (domain.Feature, error) {
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Feature{}, err
	}
	defer tx.Rollback()

	f, err := e.Repo.GetFeatureTx(ctx, tx, featureID)
	if err != nil {
		return domain.Feature{}, err
	}
	if f.Status == next {
		return f, nil
	}
	if err := ensureFeatureTransition(f.Status, next); err != nil {
		return domain.Feature{}, err
	}
	if mutate != nil {
		mutate(&f)
	}
	f.Status = next
	f.UpdatedAt = e.stamp()
	if err := e.Repo.UpdateFeatureTx(ctx, tx, f); err != nil {
		return domain.Feature{}, err
	}
	if next == domain.FeatureFailed {
		if err := e.Repo.FailInFlightTasksTx(ctx, tx, f.ID, f.UpdatedAt); err != nil {
			return domain.Feature{}, err
		}
	}
	if err := e.Events.Append(ctx, tx, "feature."+string(next), f.InitiativeID, "feature", f.ID, actorID, nil); err != nil {
		return domain.Feature{}, err
	}
	return f, tx.Commit()
}

// NextPendingFeature returns the lowest-sequence pending feature of the
// active plan, or ErrNotFound when every feature left the pending state.
func (e Engine) NextPendingFeature(ctx context.Context, initiativeID string) (domain.Feature, error) {
	plan, err := e.Repo.ActivePlan(ctx, initiativeID)
	if err != nil {
		return domain.Feature{}, err
	}
	features, err := e.Repo.ListFeatures(ctx, plan.ID)
	if err != nil {
		return domain.Feature{}, err
	}
	for _, f := range features {
		if f.Status == domain.FeaturePending {
			return f, nil
		}
	}
	return domain.Feature{}, repo.ErrNotFound
}

// CompleteInitiative verifies every feature of the active plan merged,
// writes the delivery summary, and closes the initiative. Completion is
// refused while any feature still occupies the pipeline.
func (e Engine) CompleteInitiative(ctx context.Context, initiativeID string) (domain.Summary, error) {
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Summary{}, err
	}
	defer tx.Rollback()

	in, err := e.Repo.GetInitiativeTx(ctx, tx, initiativeID)
	if err != nil {
		return domain.Summary{}, err
	}
	if in.Status == domain.InitiativeCompleted {
		s, err := e.Repo.GetSummary(ctx, initiativeID)
		if err == nil {
			return s, nil
		}
	}
	if in.Status != domain.InitiativeInProgress {
		return domain.Summary{}, transitionErr("initiative", string(in.Status), string(domain.InitiativeCompleted))
	}
	plan, err := activePlanTx(ctx, tx, initiativeID)
	if err != nil {
		return domain.Summary{}, err
	}
	features, err := e.Repo.ListFeaturesTx(ctx, tx, plan.ID)
	if err != nil {
		return domain.Summary{}, err
	}
	ts := e.stamp()
	var prURLs []string
	rejectionRounds := 0
	for _, f := range features {
		if f.Status != domain.FeatureMerged {
			return domain.Summary{}, fmt.Errorf("feature %s is %s, not merged", f.ID, f.Status)
		}
		if f.PRURL != nil {
			prURLs = append(prURLs, *f.PRURL)
		}
		rejectionRounds += f.RetryCount
	}
	tasksCompleted := 0
	if err := tx.QueryRowContext(ctx, `SELECT COUNT(*) FROM tasks t JOIN features f ON f.id=t.feature_id WHERE f.plan_id=? AND t.status='done'`, plan.ID).Scan(&tasksCompleted); err != nil {
		return domain.Summary{}, err
	}
	urls, err := json.Marshal(prURLs)
	if err != nil {
		return domain.Summary{}, err
	}
	summary := domain.Summary{
		ID:              uuid.NewString(),
		InitiativeID:    initiativeID,
		FeaturesMerged:  len(features),
		TasksCompleted:  tasksCompleted,
		RejectionRounds: rejectionRounds,
		PRURLsJSON:      string(urls),
		CreatedAt:       ts,
	}
	if err := e.Repo.InsertSummaryTx(ctx, tx, summary); err != nil {
		return domain.Summary{}, fmt.Errorf("insert summary: %w", err)
	}
	if err := e.Repo.UpdateInitiativeStatusTx(ctx, tx, initiativeID, domain.InitiativeCompleted, nil, ts); err != nil {
		return domain.Summary{}, err
	}
	if err := e.Events.Append(ctx, tx, "initiative.completed", initiativeID, "initiative", initiativeID, "system", events.EventPayload{
		"features_merged": summary.FeaturesMerged, "tasks_completed": summary.TasksCompleted,
	}); err != nil {
		return domain.Summary{}, err
	}
	return summary, tx.Commit()
}

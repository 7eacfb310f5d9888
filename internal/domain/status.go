package domain

// InitiativeStatus tracks one end-to-end delivery request.
type InitiativeStatus string

const (
	InitiativePending    InitiativeStatus = "pending"
	InitiativePlanning   InitiativeStatus = "planning"
	InitiativeNeedsInfo  InitiativeStatus = "needs_info"
	InitiativePlanReview InitiativeStatus = "plan_review"
	InitiativePlanned    InitiativeStatus = "planned"
	InitiativeInProgress InitiativeStatus = "in_progress"
	InitiativeCompleted  InitiativeStatus = "completed"
	InitiativeFailed     InitiativeStatus = "failed"
	InitiativeCancelled  InitiativeStatus = "cancelled"
)

// Terminal reports whether no further pipeline work may run for the
// initiative.
func (s InitiativeStatus) Terminal() bool {
	return s == InitiativeCompleted || s == InitiativeFailed || s == InitiativeCancelled
}

// Halted reports whether the pipeline is paused waiting for a human
// (replanning checkpoints).
func (s InitiativeStatus) Halted() bool {
	return s == InitiativeNeedsInfo || s == InitiativePlanReview
}

// FeatureStatus tracks one PR-sized unit of work.
type FeatureStatus string

const (
	FeaturePending     FeatureStatus = "pending"
	FeatureDecomposing FeatureStatus = "decomposing"
	FeatureDeveloping  FeatureStatus = "developing"
	FeatureQAReview    FeatureStatus = "qa_review"
	FeatureHumanReview FeatureStatus = "human_review"
	FeatureApproved    FeatureStatus = "approved"
	FeatureMerging     FeatureStatus = "merging"
	FeatureMerged      FeatureStatus = "merged"
	FeatureRejected    FeatureStatus = "rejected"
	FeatureFailed      FeatureStatus = "failed"
)

// AtRest reports whether the feature occupies no pipeline slot. Used to
// enforce the single-feature-in-flight invariant.
func (s FeatureStatus) AtRest() bool {
	switch s {
	case FeaturePending, FeatureMerged, FeatureFailed, FeatureRejected:
		return true
	}
	return false
}

// TaskStatus tracks one file-level unit of work within a feature.
type TaskStatus string

const (
	TaskToDo   TaskStatus = "to_do"
	TaskDoing  TaskStatus = "doing"
	TaskReview TaskStatus = "review"
	TaskDone   TaskStatus = "done"
	TaskFailed TaskStatus = "failed"
)

func (s TaskStatus) Valid() bool {
	switch s {
	case TaskToDo, TaskDoing, TaskReview, TaskDone, TaskFailed:
		return true
	}
	return false
}

// JobType is the closed set of pipeline stages the queue can carry.
// The worker dispatch switch must cover every member.
type JobType string

const (
	JobPlanInitiative     JobType = "plan_initiative"
	JobDecomposeFeature   JobType = "decompose_feature"
	JobDevelopFeature     JobType = "develop_feature"
	JobQAReview           JobType = "qa_review"
	JobNotifyHuman        JobType = "notify_human"
	JobMergeFeature       JobType = "merge_feature"
	JobCompleteInitiative JobType = "complete_initiative"
)

// Valid reports whether t is a known stage.
func (t JobType) Valid() bool {
	for _, known := range JobTypes() {
		if t == known {
			return true
		}
	}
	return false
}

// JobTypes lists every stage in pipeline order.
func JobTypes() []JobType {
	return []JobType{
		JobPlanInitiative,
		JobDecomposeFeature,
		JobDevelopFeature,
		JobQAReview,
		JobNotifyHuman,
		JobMergeFeature,
		JobCompleteInitiative,
	}
}

type JobStatus string

const (
	JobPending JobStatus = "pending"
	JobLeased  JobStatus = "leased"
	JobDone    JobStatus = "done"
	JobFailed  JobStatus = "failed"
)

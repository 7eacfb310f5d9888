package domain

type Initiative struct {
	ID               string            `json:"id"`
	Title            string            `json:"title"`
	ContentJSON      *string           `json:"content_json,omitempty"`
	SourceDocumentID *string           `json:"source_document_id,omitempty"`
	Status           InitiativeStatus  `json:"status"`
	ErrorMessage     *string           `json:"error_message,omitempty"`
	Metadata         map[string]string `json:"metadata,omitempty"`
	CreatedAt        string            `json:"created_at" format:"date-time"`
	UpdatedAt        string            `json:"updated_at" format:"date-time"`
}

type Plan struct {
	ID           string `json:"id"`
	InitiativeID string `json:"initiative_id"`
	Version      int    `json:"version"`
	Summary      string `json:"summary"`
	RawJSON      string `json:"raw_json,omitempty"`
	FeatureCount int    `json:"feature_count"`
	IsActive     bool   `json:"is_active"`
	CreatedAt    string `json:"created_at" format:"date-time"`
}

type Feature struct {
	ID                string        `json:"id"`
	PlanID            string        `json:"plan_id"`
	InitiativeID      string        `json:"initiative_id"`
	Sequence          int           `json:"sequence"`
	Title             string        `json:"title"`
	Description       string        `json:"description,omitempty"`
	AcceptanceJSON    *string       `json:"acceptance_json,omitempty"`
	BranchName        *string       `json:"branch_name,omitempty"`
	PRNumber          *int          `json:"pr_number,omitempty"`
	PRURL             *string       `json:"pr_url,omitempty"`
	Status            FeatureStatus `json:"status"`
	RejectionFeedback *string       `json:"rejection_feedback,omitempty"`
	RetryCount        int           `json:"retry_count"`
	CreatedAt         string        `json:"created_at" format:"date-time"`
	UpdatedAt         string        `json:"updated_at" format:"date-time"`
}

type Task struct {
	ID              string     `json:"id"`
	FeatureID       string     `json:"feature_id"`
	Sequence        int        `json:"sequence"`
	Title           string     `json:"title"`
	Description     string     `json:"description,omitempty"`
	TaskType        string     `json:"task_type"`
	TargetPathsJSON *string    `json:"target_paths_json,omitempty"`
	Status          TaskStatus `json:"status"`
	OutputJSON      *string    `json:"output_json,omitempty"`
	CreatedAt       string     `json:"created_at" format:"date-time"`
	UpdatedAt       string     `json:"updated_at" format:"date-time"`
}

// Job is one durable unit of queue work. FeatureID is empty for
// initiative-scoped stages.
type Job struct {
	ID             string    `json:"id"`
	Type           JobType   `json:"type"`
	InitiativeID   string    `json:"initiative_id"`
	FeatureID      *string   `json:"feature_id,omitempty"`
	PayloadJSON    string    `json:"payload_json,omitempty"`
	DedupKey       string    `json:"dedup_key"`
	Status         JobStatus `json:"status"`
	Attempt        int       `json:"attempt"`
	MaxAttempts    int       `json:"max_attempts"`
	RunAt          string    `json:"run_at" format:"date-time"`
	LeaseOwner     *string   `json:"lease_owner,omitempty"`
	LeaseExpiresAt *string   `json:"lease_expires_at,omitempty"`
	StallCount     int       `json:"stall_count"`
	LastError      *string   `json:"last_error,omitempty"`
	CreatedAt      string    `json:"created_at" format:"date-time"`
	UpdatedAt      string    `json:"updated_at" format:"date-time"`
}

// Summary is the delivery record written when an initiative completes.
type Summary struct {
	ID              string `json:"id"`
	InitiativeID    string `json:"initiative_id"`
	FeaturesMerged  int    `json:"features_merged"`
	TasksCompleted  int    `json:"tasks_completed"`
	RejectionRounds int    `json:"rejection_rounds"`
	PRURLsJSON      string `json:"pr_urls_json,omitempty"`
	CreatedAt       string `json:"created_at" format:"date-time"`
}

type Event struct {
	ID           int64  `json:"id"`
	TS           string `json:"ts" format:"date-time"`
	Type         string `json:"type"`
	InitiativeID string `json:"initiative_id,omitempty"`
	EntityKind   string `json:"entity_kind"`
	EntityID     string `json:"entity_id,omitempty"`
	ActorID      string `json:"actor_id"`
	Payload      string `json:"payload_json"`
}

type APIKey struct {
	ID        string `json:"id"`
	ActorID   string `json:"actor_id"`
	Name      string `json:"name,omitempty"`
	KeyHash   string `json:"key_hash"`
	CreatedAt string `json:"created_at" format:"date-time"`
}

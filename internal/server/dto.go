package server

import (
	"shipline/internal/domain"
)

type CreateInitiativeRequest struct {
	Title            string            `json:"title" example:"Billing portal"`
	Content          string            `json:"content,omitempty"`
	SourceDocumentID string            `json:"source_document_id,omitempty"`
	Metadata         map[string]string `json:"metadata,omitempty"`
}

type SubmitContextRequest struct {
	Content string `json:"content"`
}

type RejectFeatureRequest struct {
	Feedback string `json:"feedback"`
}

type CreateAPIKeyRequest struct {
	ActorID string `json:"actor_id"`
	Name    string `json:"name,omitempty"`
}

type APIKeyResponse struct {
	ID        string `json:"id"`
	ActorID   string `json:"actor_id"`
	Name      string `json:"name,omitempty"`
	CreatedAt string `json:"created_at"`
	// Key is only populated on creation; the server stores a hash.
	Key string `json:"key,omitempty"`
}

type InitiativeStatusResponse struct {
	Initiative domain.Initiative         `json:"initiative"`
	Plan       *domain.Plan              `json:"plan,omitempty"`
	Features   []domain.Feature          `json:"features,omitempty"`
	TaskCounts map[domain.TaskStatus]int `json:"task_counts,omitempty"`
	JobCounts  map[domain.JobStatus]int  `json:"job_counts,omitempty"`
	Summary    *domain.Summary           `json:"summary,omitempty"`
}

type paginatedEvents struct {
	Items      []domain.Event `json:"items"`
	NextCursor string         `json:"next_cursor,omitempty"`
}

type enqueuedResponse struct {
	Initiative domain.Initiative `json:"initiative"`
	JobID      string            `json:"job_id,omitempty"`
}

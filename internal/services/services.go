// Package services declares the external collaborators the pipeline
// depends on. The orchestrator only ever sees these interfaces; the
// process wiring decides what sits behind them.
package services

import (
	"context"
	"errors"
)

// Message is one turn of a model conversation.
type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// ToolSpec describes one tool offered to the model.
type ToolSpec struct {
	Name        string `json:"name"`
	Description string `json:"description,omitempty"`
	InputSchema any    `json:"input_schema,omitempty"`
}

// ToolCall is one tool invocation requested by the model.
type ToolCall struct {
	ID        string `json:"id"`
	Name      string `json:"name"`
	InputJSON string `json:"input_json"`
}

// CompletionRequest carries everything one model call needs.
type CompletionRequest struct {
	Model     string
	MaxTokens int
	System    string
	Messages  []Message
	Tools     []ToolSpec
}

// Usage is the token accounting of one completion.
type Usage struct {
	InputTokens  int `json:"input_tokens"`
	OutputTokens int `json:"output_tokens"`
}

// CompletionResponse is the model's reply.
type CompletionResponse struct {
	Text       string
	ToolCalls  []ToolCall
	StopReason string
	Usage      Usage
}

// StopOverloaded is the stop reason providers report under load
// shedding. The fallback completer keys on it.
const StopOverloaded = "overloaded"

// Completer makes one synchronous model call.
type Completer interface {
	Complete(ctx context.Context, req CompletionRequest) (CompletionResponse, error)
}

// FileEntry is one repository path listing entry.
type FileEntry struct {
	Path  string `json:"path"`
	IsDir bool   `json:"is_dir"`
	Size  int64  `json:"size,omitempty"`
}

// FileChange is one file to write in a commit.
type FileChange struct {
	Path    string `json:"path"`
	Content string `json:"content"`
	Delete  bool   `json:"delete,omitempty"`
}

// PullRequest identifies an open or merged PR.
type PullRequest struct {
	Number int    `json:"number"`
	URL    string `json:"url"`
}

// ErrBranchExists reports that a branch already exists. Branch creation
// replays on job redelivery, so callers treat it as success.
var ErrBranchExists = errors.New("branch already exists")

// SourceControl is the hosted-repository surface the pipeline drives.
// All paths are repo-relative; refs are branch names.
type SourceControl interface {
	ListFiles(ctx context.Context, repo, ref string) ([]FileEntry, error)
	ReadFile(ctx context.Context, repo, ref, path string) (string, error)
	ListDir(ctx context.Context, repo, ref, dir string) ([]FileEntry, error)
	SearchCode(ctx context.Context, repo, query string) ([]FileEntry, error)
	CreateBranch(ctx context.Context, repo, name, from string) error
	CommitFiles(ctx context.Context, repo, branch, message string, changes []FileChange) error
	Diff(ctx context.Context, repo, base, head string) (string, error)
	ChangedFiles(ctx context.Context, repo, base, head string) ([]string, error)
	OpenPR(ctx context.Context, repo, head, base, title, body string) (PullRequest, error)
	MergePR(ctx context.Context, repo string, number int) error
}

// Document is an imported requirements document with its structured
// fields flattened to text.
type Document struct {
	ID     string            `json:"id"`
	Title  string            `json:"title"`
	URL    string            `json:"url,omitempty"`
	Fields map[string]string `json:"fields,omitempty"`
}

// DocumentImporter fetches requirement documents from an external
// tracker.
type DocumentImporter interface {
	Fetch(ctx context.Context, documentID string) (Document, error)
}

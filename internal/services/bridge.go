package services

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os/exec"
	"strings"

	"shipline/internal/faults"
)

// Bridge drives all three collaborators through one external command.
// Each call execs the command with a single JSON request on stdin and
// expects a single JSON response on stdout:
//
//	{"op": "complete", ...}    -> {"text": ..., "tool_calls": [...], ...}
//	{"op": "read_file", ...}   -> {"content": ...}
//	{"op": "open_pr", ...}     -> {"number": ..., "url": ...}
//
// A non-zero exit with {"error": {"status": ..., "code": ..., "message": ...}}
// on stdout maps onto faults.StatusError so the classifier sees the
// provider's verdict. This keeps provider SDKs, credentials, and tool
// glue out of the orchestrator process entirely.
type Bridge struct {
	Command []string
}

func NewBridge(command []string) (*Bridge, error) {
	if len(command) == 0 {
		return nil, errors.New("bridge command not configured")
	}
	return &Bridge{Command: command}, nil
}

type bridgeError struct {
	Status  int    `json:"status"`
	Code    string `json:"code"`
	Message string `json:"message"`
}

func (b *Bridge) call(ctx context.Context, req map[string]any, out any) error {
	payload, err := json.Marshal(req)
	if err != nil {
		return err
	}
	cmd := exec.CommandContext(ctx, b.Command[0], b.Command[1:]...)
	cmd.Stdin = bytes.NewReader(payload)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	runErr := cmd.Run()

	var envelope struct {
		Error *bridgeError `json:"error"`
	}
	if stdout.Len() > 0 {
		_ = json.Unmarshal(stdout.Bytes(), &envelope)
	}
	if envelope.Error != nil {
		return &faults.StatusError{
			StatusCode: envelope.Error.Status,
			Code:       envelope.Error.Code,
			Message:    envelope.Error.Message,
		}
	}
	if runErr != nil {
		msg := strings.TrimSpace(stderr.String())
		if msg == "" {
			msg = runErr.Error()
		}
		return fmt.Errorf("bridge %s: %s", req["op"], msg)
	}
	if out == nil {
		return nil
	}
	if err := json.Unmarshal(stdout.Bytes(), out); err != nil {
		return fmt.Errorf("bridge %s: decode response: %w", req["op"], err)
	}
	return nil
}

func (b *Bridge) Complete(ctx context.Context, req CompletionRequest) (CompletionResponse, error) {
	var out struct {
		Text       string     `json:"text"`
		ToolCalls  []ToolCall `json:"tool_calls"`
		StopReason string     `json:"stop_reason"`
		Usage      Usage      `json:"usage"`
	}
	err := b.call(ctx, map[string]any{
		"op":         "complete",
		"model":      req.Model,
		"max_tokens": req.MaxTokens,
		"system":     req.System,
		"messages":   req.Messages,
		"tools":      req.Tools,
	}, &out)
	if err != nil {
		return CompletionResponse{}, err
	}
	return CompletionResponse{
		Text:       out.Text,
		ToolCalls:  out.ToolCalls,
		StopReason: out.StopReason,
		Usage:      out.Usage,
	}, nil
}

func (b *Bridge) ListFiles(ctx context.Context, repo, ref string) ([]FileEntry, error) {
	return b.entries(ctx, map[string]any{"op": "list_files", "repo": repo, "ref": ref})
}

func (b *Bridge) ListDir(ctx context.Context, repo, ref, dir string) ([]FileEntry, error) {
	return b.entries(ctx, map[string]any{"op": "list_dir", "repo": repo, "ref": ref, "dir": dir})
}

func (b *Bridge) SearchCode(ctx context.Context, repo, query string) ([]FileEntry, error) {
	return b.entries(ctx, map[string]any{"op": "search_code", "repo": repo, "query": query})
}

func (b *Bridge) entries(ctx context.Context, req map[string]any) ([]FileEntry, error) {
	var out struct {
		Entries []FileEntry `json:"entries"`
	}
	if err := b.call(ctx, req, &out); err != nil {
		return nil, err
	}
	return out.Entries, nil
}

func (b *Bridge) ReadFile(ctx context.Context, repo, ref, path string) (string, error) {
	var out struct {
		Content string `json:"content"`
	}
	if err := b.call(ctx, map[string]any{"op": "read_file", "repo": repo, "ref": ref, "path": path}, &out); err != nil {
		return "", err
	}
	return out.Content, nil
}

func (b *Bridge) CreateBranch(ctx context.Context, repo, name, from string) error {
	err := b.call(ctx, map[string]any{"op": "create_branch", "repo": repo, "name": name, "from": from}, nil)
	var se *faults.StatusError
	if errors.As(err, &se) && (se.Code == "branch_exists" || se.StatusCode == 422) {
		return ErrBranchExists
	}
	return err
}

func (b *Bridge) CommitFiles(ctx context.Context, repo, branch, message string, changes []FileChange) error {
	return b.call(ctx, map[string]any{
		"op": "commit_files", "repo": repo, "branch": branch, "message": message, "changes": changes,
	}, nil)
}

func (b *Bridge) Diff(ctx context.Context, repo, base, head string) (string, error) {
	var out struct {
		Diff string `json:"diff"`
	}
	if err := b.call(ctx, map[string]any{"op": "diff", "repo": repo, "base": base, "head": head}, &out); err != nil {
		return "", err
	}
	return out.Diff, nil
}

func (b *Bridge) ChangedFiles(ctx context.Context, repo, base, head string) ([]string, error) {
	var out struct {
		Files []string `json:"files"`
	}
	if err := b.call(ctx, map[string]any{"op": "changed_files", "repo": repo, "base": base, "head": head}, &out); err != nil {
		return nil, err
	}
	return out.Files, nil
}

func (b *Bridge) OpenPR(ctx context.Context, repo, head, base, title, body string) (PullRequest, error) {
	var out PullRequest
	err := b.call(ctx, map[string]any{
		"op": "open_pr", "repo": repo, "head": head, "base": base, "title": title, "body": body,
	}, &out)
	return out, err
}

func (b *Bridge) MergePR(ctx context.Context, repo string, number int) error {
	return b.call(ctx, map[string]any{"op": "merge_pr", "repo": repo, "number": number}, nil)
}

func (b *Bridge) Fetch(ctx context.Context, documentID string) (Document, error) {
	var out Document
	err := b.call(ctx, map[string]any{"op": "fetch_document", "document_id": documentID}, &out)
	return out, err
}

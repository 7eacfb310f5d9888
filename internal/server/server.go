// Package server exposes the trigger API: the HTTP surface humans and
// integrations use to start initiatives, answer checkpoints, and watch
// the pipeline. Workers never go through it; they share the engine
// directly.
package server

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/danielgtaylor/huma/v2"
	humachi "github.com/danielgtaylor/huma/v2/adapters/humachi"
	"github.com/go-chi/chi/v5"

	"shipline/internal/domain"
	"shipline/internal/engine"
	"shipline/internal/queue"
	"shipline/internal/repo"
)

// Config for the HTTP API handler.
type Config struct {
	Engine   engine.Engine
	Queue    *queue.Queue
	BasePath string
	Auth     AuthConfig
}

type apiErrorBody struct {
	Code    string         `json:"code" example:"not_found"`
	Message string         `json:"message" example:"initiative not found"`
	Details map[string]any `json:"details,omitempty" jsonschema:"type=object,additionalProperties=true"`
}

// apiError models the error envelope every endpoint returns.
type apiError struct {
	status int
	Body   apiErrorBody `json:"error"`
}

func (e *apiError) GetStatus() int { return e.status }
func (e *apiError) Error() string  { return e.Body.Message }

// New returns an HTTP handler exposing the Shipline API.
func New(cfg Config) (http.Handler, error) {
	basePath := cfg.BasePath
	if basePath == "" {
		basePath = "/v0"
	}
	if !strings.HasPrefix(basePath, "/") {
		basePath = "/" + basePath
	}
	huma.DefaultArrayNullable = false
	huma.NewError = func(status int, msg string, errs ...error) huma.StatusError {
		return newAPIError(status, "", msg, nil)
	}
	huma.NewErrorWithContext = func(_ huma.Context, status int, msg string, errs ...error) huma.StatusError {
		if status == http.StatusUnprocessableEntity && strings.Contains(strings.ToLower(msg), "validation") {
			status = http.StatusBadRequest
		}
		var details map[string]any
		if len(errs) > 0 {
			details = map[string]any{"errors": errs}
		}
		return newAPIError(status, "", msg, details)
	}

	router := chi.NewRouter()
	router.Use(newAuthMiddleware(basePath, cfg.Auth, cfg.Engine.Repo))
	hcfg := huma.DefaultConfig("Shipline API", "0.1.0")
	hcfg.OpenAPIPath = "/openapi"
	api := humachi.New(router, hcfg)
	group := huma.NewGroup(api, basePath)

	registerHealth(group)
	registerInitiatives(group, cfg.Engine, cfg.Queue)
	registerFeatures(group, cfg.Engine, cfg.Queue)
	registerEvents(group, cfg.Engine)
	registerAPIKeys(group, cfg.Engine)
	registerDevAuth(group, cfg.Auth)

	return router, nil
}

func newAPIError(status int, code, message string, details map[string]any) huma.StatusError {
	if code == "" {
		code = defaultCodeForStatus(status)
	}
	return &apiError{
		status: status,
		Body: apiErrorBody{
			Code:    code,
			Message: message,
			Details: details,
		},
	}
}

func handleError(err error) huma.StatusError {
	if err == nil {
		return nil
	}
	if errors.Is(err, repo.ErrNotFound) {
		return newAPIError(http.StatusNotFound, "not_found", err.Error(), nil)
	}
	msg := err.Error()
	lowered := strings.ToLower(msg)
	switch {
	case strings.Contains(lowered, "invalid") && strings.Contains(lowered, "transition"):
		return newAPIError(http.StatusConflict, "conflict", msg, nil)
	case strings.Contains(lowered, "already"):
		return newAPIError(http.StatusConflict, "conflict", msg, nil)
	case strings.Contains(lowered, "required") || strings.Contains(lowered, "missing"):
		return newAPIError(http.StatusBadRequest, "bad_request", msg, nil)
	default:
		return newAPIError(http.StatusInternalServerError, "internal_error", "internal error", map[string]any{"error": msg})
	}
}

func defaultCodeForStatus(status int) string {
	switch status {
	case http.StatusBadRequest:
		return "bad_request"
	case http.StatusNotFound:
		return "not_found"
	case http.StatusConflict:
		return "conflict"
	case http.StatusUnprocessableEntity:
		return "validation_failed"
	case http.StatusForbidden:
		return "forbidden"
	case http.StatusInternalServerError:
		return "internal_error"
	default:
		return strings.ToLower(strings.ReplaceAll(http.StatusText(status), " ", "_"))
	}
}

func registerHealth(api huma.API) {
	huma.Register(api, huma.Operation{
		OperationID: "health",
		Method:      http.MethodGet,
		Path:        "/health",
		Summary:     "Health check",
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body map[string]string `json:"body"`
	}, error) {
		return &struct {
			Body map[string]string `json:"body"`
		}{Body: map[string]string{"status": "ok"}}, nil
	})
}

func registerInitiatives(api huma.API, e engine.Engine, q *queue.Queue) {
	type initiativePath struct {
		InitiativeID string `path:"initiative_id"`
	}

	huma.Register(api, huma.Operation{
		OperationID:   "create-initiative",
		Method:        http.MethodPost,
		Path:          "/initiatives",
		Summary:       "Create initiative and enqueue planning",
		DefaultStatus: http.StatusCreated,
	}, func(ctx context.Context, input *struct {
		Body CreateInitiativeRequest `json:"body"`
	}) (*struct {
		Body enqueuedResponse `json:"body"`
	}, error) {
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		in, err := e.CreateInitiative(ctx, engine.InitiativeCreateOptions{
			Title:            input.Body.Title,
			Content:          input.Body.Content,
			SourceDocumentID: input.Body.SourceDocumentID,
			Metadata:         input.Body.Metadata,
			ActorID:          actorID,
		})
		if err != nil {
			return nil, handleError(err)
		}
		job, _, err := q.Enqueue(ctx, domain.JobPlanInitiative, in.ID, nil, nil)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body enqueuedResponse `json:"body"`
		}{Body: enqueuedResponse{Initiative: in, JobID: job.ID}}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-initiatives",
		Method:      http.MethodGet,
		Path:        "/initiatives",
		Summary:     "List initiatives",
	}, func(ctx context.Context, input *struct {
		Limit int `query:"limit" default:"50"`
	}) (*struct {
		Body []domain.Initiative `json:"body"`
	}, error) {
		items, err := e.Repo.ListInitiatives(ctx, normalizeLimit(input.Limit))
		if err != nil {
			return nil, handleError(err)
		}
		if items == nil {
			items = []domain.Initiative{}
		}
		return &struct {
			Body []domain.Initiative `json:"body"`
		}{Body: items}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-initiative",
		Method:      http.MethodGet,
		Path:        "/initiatives/{initiative_id}",
		Summary:     "Get initiative",
	}, func(ctx context.Context, input *initiativePath) (*struct {
		Body domain.Initiative `json:"body"`
	}, error) {
		in, err := e.Repo.GetInitiative(ctx, input.InitiativeID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.Initiative `json:"body"`
		}{Body: in}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "initiative-status",
		Method:      http.MethodGet,
		Path:        "/initiatives/{initiative_id}/status",
		Summary:     "Initiative pipeline status",
	}, func(ctx context.Context, input *initiativePath) (*struct {
		Body InitiativeStatusResponse `json:"body"`
	}, error) {
		resp, err := initiativeStatus(ctx, e, input.InitiativeID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body InitiativeStatusResponse `json:"body"`
		}{Body: resp}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "submit-context",
		Method:      http.MethodPost,
		Path:        "/initiatives/{initiative_id}/context",
		Summary:     "Answer the planner's open questions",
	}, func(ctx context.Context, input *struct {
		InitiativeID string               `path:"initiative_id"`
		Body         SubmitContextRequest `json:"body"`
	}) (*struct {
		Body enqueuedResponse `json:"body"`
	}, error) {
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		in, err := e.SubmitContext(ctx, input.InitiativeID, input.Body.Content, actorID)
		if err != nil {
			return nil, handleError(err)
		}
		job, _, err := q.Enqueue(ctx, domain.JobPlanInitiative, in.ID, nil, nil)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body enqueuedResponse `json:"body"`
		}{Body: enqueuedResponse{Initiative: in, JobID: job.ID}}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "approve-plan",
		Method:      http.MethodPost,
		Path:        "/initiatives/{initiative_id}/plan/approve",
		Summary:     "Approve the plan and start delivery",
	}, func(ctx context.Context, input *initiativePath) (*struct {
		Body enqueuedResponse `json:"body"`
	}, error) {
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		if _, err := e.ApprovePlan(ctx, input.InitiativeID, actorID); err != nil {
			return nil, handleError(err)
		}
		in, jobID, err := startDelivery(ctx, e, q, input.InitiativeID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body enqueuedResponse `json:"body"`
		}{Body: enqueuedResponse{Initiative: in, JobID: jobID}}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "cancel-initiative",
		Method:      http.MethodPost,
		Path:        "/initiatives/{initiative_id}/cancel",
		Summary:     "Cancel initiative",
	}, func(ctx context.Context, input *initiativePath) (*struct {
		Body domain.Initiative `json:"body"`
	}, error) {
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		in, err := e.CancelInitiative(ctx, input.InitiativeID, actorID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.Initiative `json:"body"`
		}{Body: in}, nil
	})
}

func startDelivery(ctx context.Context, e engine.Engine, q *queue.Queue, initiativeID string) (domain.Initiative, string, error) {
	in, err := e.StartDelivery(ctx, initiativeID)
	if err != nil {
		return in, "", err
	}
	next, err := e.NextPendingFeature(ctx, initiativeID)
	if err != nil {
		return in, "", err
	}
	job, _, err := q.Enqueue(ctx, domain.JobDecomposeFeature, initiativeID, &next.ID, nil)
	return in, job.ID, err
}

func initiativeStatus(ctx context.Context, e engine.Engine, initiativeID string) (InitiativeStatusResponse, error) {
	in, err := e.Repo.GetInitiative(ctx, initiativeID)
	if err != nil {
		return InitiativeStatusResponse{}, err
	}
	resp := InitiativeStatusResponse{Initiative: in}
	plan, err := e.Repo.ActivePlan(ctx, initiativeID)
	if err == nil {
		resp.Plan = &plan
		features, err := e.Repo.ListFeatures(ctx, plan.ID)
		if err != nil {
			return resp, err
		}
		resp.Features = features
		for _, f := range features {
			if f.Status.AtRest() {
				continue
			}
			counts, err := e.Repo.CountTasksByStatus(ctx, f.ID)
			if err != nil {
				return resp, err
			}
			resp.TaskCounts = counts
			break
		}
	} else if err != repo.ErrNotFound {
		return resp, err
	}
	jobCounts, err := e.Repo.CountJobsByStatus(ctx, initiativeID)
	if err != nil {
		return resp, err
	}
	resp.JobCounts = jobCounts
	if summary, err := e.Repo.GetSummary(ctx, initiativeID); err == nil {
		resp.Summary = &summary
	}
	return resp, nil
}

func registerFeatures(api huma.API, e engine.Engine, q *queue.Queue) {
	type featurePath struct {
		FeatureID string `path:"feature_id"`
	}

	huma.Register(api, huma.Operation{
		OperationID: "approve-feature",
		Method:      http.MethodPost,
		Path:        "/features/{feature_id}/approve",
		Summary:     "Approve a feature awaiting human review",
	}, func(ctx context.Context, input *featurePath) (*struct {
		Body domain.Feature `json:"body"`
	}, error) {
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		f, err := e.ApproveFeature(ctx, input.FeatureID, actorID)
		if err != nil {
			return nil, handleError(err)
		}
		if _, _, err := q.Enqueue(ctx, domain.JobMergeFeature, f.InitiativeID, &f.ID, nil); err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.Feature `json:"body"`
		}{Body: f}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "reject-feature",
		Method:      http.MethodPost,
		Path:        "/features/{feature_id}/reject",
		Summary:     "Reject a feature with feedback",
	}, func(ctx context.Context, input *struct {
		FeatureID string               `path:"feature_id"`
		Body      RejectFeatureRequest `json:"body"`
	}) (*struct {
		Body domain.Feature `json:"body"`
	}, error) {
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		maxRetries := 0
		if e.Config != nil {
			maxRetries = e.Config.Pipeline.MaxRejectionRetries
		}
		f, retry, err := e.RejectFeature(ctx, input.FeatureID, input.Body.Feedback, actorID, maxRetries)
		if err != nil {
			return nil, handleError(err)
		}
		if retry {
			if _, err := e.BeginRework(ctx, f.ID); err != nil {
				return nil, handleError(err)
			}
			if _, _, err := q.Enqueue(ctx, domain.JobDevelopFeature, f.InitiativeID, &f.ID, map[string]string{
				"mode": "reprocess", "feedback": input.Body.Feedback,
			}); err != nil {
				return nil, handleError(err)
			}
		} else {
			reason := "feature rejected past its retry budget: " + input.Body.Feedback
			if _, err := e.MarkInitiativeFailed(ctx, f.InitiativeID, reason); err != nil {
				return nil, handleError(err)
			}
		}
		return &struct {
			Body domain.Feature `json:"body"`
		}{Body: f}, nil
	})
}

func registerEvents(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "list-events",
		Method:      http.MethodGet,
		Path:        "/events",
		Summary:     "List recent events",
	}, func(ctx context.Context, input *struct {
		InitiativeID string `query:"initiative_id"`
		Type         string `query:"type"`
		EntityKind   string `query:"entity_kind" enum:",initiative,plan,feature,task,job"`
		EntityID     string `query:"entity_id"`
		Limit        int    `query:"limit" default:"50"`
		Cursor       string `query:"cursor"`
	}) (*struct {
		Body paginatedEvents `json:"body"`
	}, error) {
		limit := normalizeLimit(input.Limit)
		var cursorID int64
		if input.Cursor != "" {
			parsed, err := strconv.ParseInt(input.Cursor, 10, 64)
			if err != nil {
				return nil, newAPIError(http.StatusBadRequest, "bad_request", "invalid cursor", map[string]any{"cursor": input.Cursor})
			}
			cursorID = parsed
		}
		items, err := e.Repo.LatestEventsFrom(ctx, limit+1, cursorID, input.InitiativeID, input.Type, input.EntityKind, input.EntityID)
		if err != nil {
			return nil, handleError(err)
		}
		resp := paginatedEvents{Items: []domain.Event{}}
		if len(items) > limit {
			resp.NextCursor = strconv.FormatInt(items[limit].ID, 10)
			items = items[:limit]
		}
		resp.Items = append(resp.Items, items...)
		return &struct {
			Body paginatedEvents `json:"body"`
		}{Body: resp}, nil
	})
}

func registerAPIKeys(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID:   "create-apikey",
		Method:        http.MethodPost,
		Path:          "/apikeys",
		Summary:       "Create API key",
		DefaultStatus: http.StatusCreated,
	}, func(ctx context.Context, input *struct {
		Body CreateAPIKeyRequest `json:"body"`
	}) (*struct {
		Body APIKeyResponse `json:"body"`
	}, error) {
		if strings.TrimSpace(input.Body.ActorID) == "" {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "actor_id is required", nil)
		}
		plaintext, key, err := MintAPIKey(ctx, e.Repo, input.Body.ActorID, input.Body.Name)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body APIKeyResponse `json:"body"`
		}{Body: APIKeyResponse{
			ID: key.ID, ActorID: key.ActorID, Name: key.Name, CreatedAt: key.CreatedAt, Key: plaintext,
		}}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-apikeys",
		Method:      http.MethodGet,
		Path:        "/apikeys",
		Summary:     "List API keys",
	}, func(ctx context.Context, input *struct {
		ActorID string `query:"actor_id"`
	}) (*struct {
		Body []APIKeyResponse `json:"body"`
	}, error) {
		keys, err := e.Repo.ListAPIKeys(ctx, input.ActorID)
		if err != nil {
			return nil, handleError(err)
		}
		resp := make([]APIKeyResponse, 0, len(keys))
		for _, k := range keys {
			resp = append(resp, APIKeyResponse{ID: k.ID, ActorID: k.ActorID, Name: k.Name, CreatedAt: k.CreatedAt})
		}
		return &struct {
			Body []APIKeyResponse `json:"body"`
		}{Body: resp}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID:   "delete-apikey",
		Method:        http.MethodDelete,
		Path:          "/apikeys/{key_id}",
		Summary:       "Delete API key",
		DefaultStatus: http.StatusNoContent,
	}, func(ctx context.Context, input *struct {
		KeyID string `path:"key_id"`
	}) (*struct{}, error) {
		if err := e.Repo.DeleteAPIKey(ctx, input.KeyID); err != nil {
			return nil, handleError(err)
		}
		return &struct{}{}, nil
	})
}

func registerDevAuth(api huma.API, authCfg AuthConfig) {
	huma.Register(api, huma.Operation{
		OperationID: "dev-login",
		Method:      http.MethodPost,
		Path:        "/auth/dev/login",
		Summary:     "Mint a development JWT",
	}, func(ctx context.Context, input *struct {
		Body struct {
			ActorID string `json:"actor_id"`
		} `json:"body"`
	}) (*struct {
		Body map[string]string `json:"body"`
	}, error) {
		if !authCfg.DevLoginEnabled {
			return nil, newAPIError(http.StatusForbidden, "forbidden", "dev login disabled", nil)
		}
		if strings.TrimSpace(input.Body.ActorID) == "" {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "actor_id is required", nil)
		}
		token, err := issueJWT(input.Body.ActorID, authCfg.JWTSecret, 24*time.Hour)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body map[string]string `json:"body"`
		}{Body: map[string]string{"token": token}}, nil
	})
}

func normalizeLimit(limit int) int {
	if limit <= 0 {
		return 50
	}
	if limit > 500 {
		return 500
	}
	return limit
}

package server

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net"
	"net/http"
	"testing"

	"shipline/internal/config"
	"shipline/internal/db"
	"shipline/internal/domain"
	"shipline/internal/engine"
	"shipline/internal/events"
	"shipline/internal/migrate"
	"shipline/internal/queue"
)

type testServer struct {
	URL    string
	Engine engine.Engine
	Queue  *queue.Queue
	client *http.Client
	close  func()
}

func (s *testServer) Client() *http.Client { return s.client }

func newTestServer(t *testing.T) *testServer {
	t.Helper()
	workspace := t.TempDir()
	if _, err := db.EnsureWorkspace(workspace); err != nil {
		t.Fatalf("ensure workspace: %v", err)
	}
	conn, err := db.Open(db.Config{Workspace: workspace})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	if err := migrate.Migrate(conn); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	e := engine.New(conn, config.Default("acme/shop"))
	q := &queue.Queue{DB: conn, Repo: e.Repo, Events: events.Writer{DB: conn}}
	handler, err := New(Config{
		Engine:   e,
		Queue:    q,
		BasePath: "/v0",
		Auth:     AuthConfig{JWTSecret: "test-secret", DevLoginEnabled: true},
	})
	if err != nil {
		t.Fatalf("build handler: %v", err)
	}
	ln, err := net.Listen("tcp4", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	srv := &http.Server{Handler: handler}
	go srv.Serve(ln)
	ts := &testServer{
		URL:    "http://" + ln.Addr().String(),
		Engine: e,
		Queue:  q,
		client: &http.Client{},
		close: func() {
			srv.Shutdown(context.Background())
			ln.Close()
			conn.Close()
		},
	}
	t.Cleanup(ts.close)
	return ts
}

func doJSON(t *testing.T, client *http.Client, method, url string, body any, headers map[string]string) (*http.Response, []byte) {
	t.Helper()
	var reader *bytes.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("marshal body: %v", err)
		}
		reader = bytes.NewReader(b)
	} else {
		reader = bytes.NewReader(nil)
	}
	req, err := http.NewRequest(method, url, reader)
	if err != nil {
		t.Fatalf("new request: %v", err)
	}
	req.Header.Set("Content-Type", "application/json")
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	res, err := client.Do(req)
	if err != nil {
		t.Fatalf("do request: %v", err)
	}
	defer res.Body.Close()
	data, err := io.ReadAll(res.Body)
	if err != nil {
		t.Fatalf("read body: %v", err)
	}
	return res, data
}

func authHeaders(t *testing.T, srv *testServer) map[string]string {
	t.Helper()
	res, data := doJSON(t, srv.Client(), http.MethodPost, srv.URL+"/v0/auth/dev/login", map[string]any{
		"actor_id": "tester",
	}, nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("dev login status %d: %s", res.StatusCode, string(data))
	}
	var out map[string]string
	if err := json.Unmarshal(data, &out); err != nil {
		t.Fatalf("unmarshal token: %v", err)
	}
	return map[string]string{"Authorization": "Bearer " + out["token"]}
}

func TestAuthRequired(t *testing.T) {
	srv := newTestServer(t)

	res, data := doJSON(t, srv.Client(), http.MethodGet, srv.URL+"/v0/initiatives", nil, nil)
	if res.StatusCode != http.StatusUnauthorized {
		t.Fatalf("anonymous request status %d: %s", res.StatusCode, string(data))
	}
	var envelope struct {
		Error struct {
			Code string `json:"code"`
		} `json:"error"`
	}
	if err := json.Unmarshal(data, &envelope); err != nil {
		t.Fatalf("unmarshal error envelope: %v", err)
	}
	if envelope.Error.Code != "unauthorized" {
		t.Fatalf("error code = %s, want unauthorized", envelope.Error.Code)
	}

	// Health stays open.
	res, _ = doJSON(t, srv.Client(), http.MethodGet, srv.URL+"/v0/health", nil, nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("health status %d", res.StatusCode)
	}

	// Garbage bearer tokens are rejected.
	res, _ = doJSON(t, srv.Client(), http.MethodGet, srv.URL+"/v0/initiatives", nil, map[string]string{
		"Authorization": "Bearer not-a-token",
	})
	if res.StatusCode != http.StatusUnauthorized {
		t.Fatalf("bad token status %d", res.StatusCode)
	}
}

func TestAPIKeyAuth(t *testing.T) {
	srv := newTestServer(t)
	plaintext, _, err := MintAPIKey(context.Background(), srv.Engine.Repo, "ci-bot", "ci")
	if err != nil {
		t.Fatalf("mint key: %v", err)
	}
	res, data := doJSON(t, srv.Client(), http.MethodGet, srv.URL+"/v0/initiatives", nil, map[string]string{
		"X-Api-Key": plaintext,
	})
	if res.StatusCode != http.StatusOK {
		t.Fatalf("api key request status %d: %s", res.StatusCode, string(data))
	}
	res, _ = doJSON(t, srv.Client(), http.MethodGet, srv.URL+"/v0/initiatives", nil, map[string]string{
		"X-Api-Key": "wrong-key",
	})
	if res.StatusCode != http.StatusUnauthorized {
		t.Fatalf("wrong key status %d", res.StatusCode)
	}
}

func TestCreateInitiativeEnqueuesPlanning(t *testing.T) {
	srv := newTestServer(t)
	headers := authHeaders(t, srv)

	res, data := doJSON(t, srv.Client(), http.MethodPost, srv.URL+"/v0/initiatives", map[string]any{
		"title":   "Billing portal",
		"content": "Customers need to download invoices.",
	}, headers)
	if res.StatusCode != http.StatusCreated {
		t.Fatalf("create status %d: %s", res.StatusCode, string(data))
	}
	var created enqueuedResponse
	if err := json.Unmarshal(data, &created); err != nil {
		t.Fatalf("unmarshal response: %v", err)
	}
	if created.Initiative.Status != domain.InitiativePending || created.JobID == "" {
		t.Fatalf("unexpected response: %+v", created)
	}

	job, err := srv.Engine.Repo.GetJob(context.Background(), created.JobID)
	if err != nil {
		t.Fatalf("get job: %v", err)
	}
	if job.Type != domain.JobPlanInitiative || job.Status != domain.JobPending {
		t.Fatalf("job = %+v, want pending plan_initiative", job)
	}

	// Title is mandatory.
	res, _ = doJSON(t, srv.Client(), http.MethodPost, srv.URL+"/v0/initiatives", map[string]any{
		"content": "no title",
	}, headers)
	if res.StatusCode != http.StatusBadRequest {
		t.Fatalf("missing title status %d", res.StatusCode)
	}
}

func TestStatusEndpoint(t *testing.T) {
	srv := newTestServer(t)
	headers := authHeaders(t, srv)
	ctx := context.Background()

	in, err := srv.Engine.CreateInitiative(ctx, engine.InitiativeCreateOptions{
		Title: "Checkout revamp", Content: "brief", ActorID: "tester",
	})
	if err != nil {
		t.Fatal(err)
	}
	if _, err := srv.Engine.MarkPlanning(ctx, in.ID); err != nil {
		t.Fatal(err)
	}
	if _, err := srv.Engine.RecordPlan(ctx, in.ID, "one slice", "{}", []engine.FeatureDraft{{Title: "Cart"}}, false, "system"); err != nil {
		t.Fatal(err)
	}

	res, data := doJSON(t, srv.Client(), http.MethodGet, srv.URL+"/v0/initiatives/"+in.ID+"/status", nil, headers)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("status endpoint %d: %s", res.StatusCode, string(data))
	}
	var status InitiativeStatusResponse
	if err := json.Unmarshal(data, &status); err != nil {
		t.Fatalf("unmarshal status: %v", err)
	}
	if status.Initiative.Status != domain.InitiativePlanned {
		t.Fatalf("initiative = %s, want planned", status.Initiative.Status)
	}
	if status.Plan == nil || status.Plan.Version != 1 {
		t.Fatalf("plan missing from status: %+v", status.Plan)
	}
	if len(status.Features) != 1 {
		t.Fatalf("features = %d, want 1", len(status.Features))
	}

	res, _ = doJSON(t, srv.Client(), http.MethodGet, srv.URL+"/v0/initiatives/no-such-id/status", nil, headers)
	if res.StatusCode != http.StatusNotFound {
		t.Fatalf("missing initiative status %d", res.StatusCode)
	}
}

func seedFeatureAtHumanReview(t *testing.T, srv *testServer) (domain.Initiative, domain.Feature) {
	t.Helper()
	ctx := context.Background()
	in, err := srv.Engine.CreateInitiative(ctx, engine.InitiativeCreateOptions{
		Title: "Checkout revamp", Content: "brief", ActorID: "tester",
	})
	if err != nil {
		t.Fatal(err)
	}
	if _, err := srv.Engine.MarkPlanning(ctx, in.ID); err != nil {
		t.Fatal(err)
	}
	plan, err := srv.Engine.RecordPlan(ctx, in.ID, "one slice", "{}", []engine.FeatureDraft{{Title: "Cart"}}, false, "system")
	if err != nil {
		t.Fatal(err)
	}
	if _, err := srv.Engine.StartDelivery(ctx, in.ID); err != nil {
		t.Fatal(err)
	}
	features, err := srv.Engine.Repo.ListFeatures(ctx, plan.ID)
	if err != nil {
		t.Fatal(err)
	}
	f := features[0]
	if _, err := srv.Engine.BeginFeature(ctx, f.ID); err != nil {
		t.Fatal(err)
	}
	if _, err := srv.Engine.RecordDecomposition(ctx, f.ID, "feature/001-cart", nil); err != nil {
		t.Fatal(err)
	}
	if _, err := srv.Engine.SubmitForQA(ctx, f.ID); err != nil {
		t.Fatal(err)
	}
	f2, err := srv.Engine.RecordQAPass(ctx, f.ID, 7, "https://github.com/acme/shop/pull/7")
	if err != nil {
		t.Fatal(err)
	}
	return in, f2
}

func TestFeatureApprovalEnqueuesMerge(t *testing.T) {
	srv := newTestServer(t)
	headers := authHeaders(t, srv)
	in, f := seedFeatureAtHumanReview(t, srv)

	res, data := doJSON(t, srv.Client(), http.MethodPost, srv.URL+"/v0/features/"+f.ID+"/approve", nil, headers)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("approve status %d: %s", res.StatusCode, string(data))
	}
	var approved domain.Feature
	if err := json.Unmarshal(data, &approved); err != nil {
		t.Fatal(err)
	}
	if approved.Status != domain.FeatureApproved {
		t.Fatalf("feature = %s, want approved", approved.Status)
	}
	jobs, err := srv.Engine.Repo.ListJobs(context.Background(), in.ID, domain.JobPending, 10)
	if err != nil {
		t.Fatal(err)
	}
	if len(jobs) != 1 || jobs[0].Type != domain.JobMergeFeature {
		t.Fatalf("jobs = %+v, want one pending merge_feature", jobs)
	}

	// A second approval of the same feature conflicts.
	res, _ = doJSON(t, srv.Client(), http.MethodPost, srv.URL+"/v0/features/"+f.ID+"/approve", nil, headers)
	if res.StatusCode != http.StatusConflict {
		t.Fatalf("double approve status %d", res.StatusCode)
	}
}

func TestFeatureRejectionEnqueuesRework(t *testing.T) {
	srv := newTestServer(t)
	headers := authHeaders(t, srv)
	in, f := seedFeatureAtHumanReview(t, srv)

	res, data := doJSON(t, srv.Client(), http.MethodPost, srv.URL+"/v0/features/"+f.ID+"/reject", map[string]any{
		"feedback": "cart must survive logout",
	}, headers)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("reject status %d: %s", res.StatusCode, string(data))
	}
	jobs, err := srv.Engine.Repo.ListJobs(context.Background(), in.ID, domain.JobPending, 10)
	if err != nil {
		t.Fatal(err)
	}
	if len(jobs) != 1 || jobs[0].Type != domain.JobDevelopFeature {
		t.Fatalf("jobs = %+v, want one pending develop_feature", jobs)
	}
	got, _ := srv.Engine.Repo.GetFeature(context.Background(), f.ID)
	if got.Status != domain.FeatureDeveloping {
		t.Fatalf("feature = %s, want developing", got.Status)
	}
}

func TestEventsPagination(t *testing.T) {
	srv := newTestServer(t)
	headers := authHeaders(t, srv)
	ctx := context.Background()
	for i := 0; i < 3; i++ {
		if _, err := srv.Engine.CreateInitiative(ctx, engine.InitiativeCreateOptions{
			Title: "Initiative", Content: "brief", ActorID: "tester",
		}); err != nil {
			t.Fatal(err)
		}
	}

	res, data := doJSON(t, srv.Client(), http.MethodGet, srv.URL+"/v0/events?limit=2", nil, headers)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("events status %d: %s", res.StatusCode, string(data))
	}
	var page paginatedEvents
	if err := json.Unmarshal(data, &page); err != nil {
		t.Fatal(err)
	}
	if len(page.Items) != 2 || page.NextCursor == "" {
		t.Fatalf("page = %d items cursor %q, want 2 items and a cursor", len(page.Items), page.NextCursor)
	}

	res, data = doJSON(t, srv.Client(), http.MethodGet, srv.URL+"/v0/events?limit=2&cursor="+page.NextCursor, nil, headers)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("second page status %d", res.StatusCode)
	}
	var page2 paginatedEvents
	if err := json.Unmarshal(data, &page2); err != nil {
		t.Fatal(err)
	}
	if len(page2.Items) != 1 || page2.NextCursor != "" {
		t.Fatalf("second page = %d items cursor %q, want final page of 1", len(page2.Items), page2.NextCursor)
	}
	if page.Items[0].ID <= page2.Items[0].ID {
		t.Fatalf("events must page newest first")
	}
}

func TestAPIKeyLifecycleOverHTTP(t *testing.T) {
	srv := newTestServer(t)
	headers := authHeaders(t, srv)

	res, data := doJSON(t, srv.Client(), http.MethodPost, srv.URL+"/v0/apikeys", map[string]any{
		"actor_id": "ci-bot",
		"name":     "ci",
	}, headers)
	if res.StatusCode != http.StatusCreated {
		t.Fatalf("create key status %d: %s", res.StatusCode, string(data))
	}
	var created APIKeyResponse
	if err := json.Unmarshal(data, &created); err != nil {
		t.Fatal(err)
	}
	if created.Key == "" {
		t.Fatalf("plaintext key must return on creation")
	}

	// The new key authenticates; listing never re-exposes the plaintext.
	res, data = doJSON(t, srv.Client(), http.MethodGet, srv.URL+"/v0/apikeys", nil, map[string]string{
		"X-Api-Key": created.Key,
	})
	if res.StatusCode != http.StatusOK {
		t.Fatalf("list keys status %d: %s", res.StatusCode, string(data))
	}
	var listed []APIKeyResponse
	if err := json.Unmarshal(data, &listed); err != nil {
		t.Fatal(err)
	}
	if len(listed) != 1 || listed[0].Key != "" {
		t.Fatalf("listed = %+v, want one key with no plaintext", listed)
	}

	res, _ = doJSON(t, srv.Client(), http.MethodDelete, srv.URL+"/v0/apikeys/"+created.ID, nil, headers)
	if res.StatusCode != http.StatusNoContent {
		t.Fatalf("delete key status %d", res.StatusCode)
	}
	res, _ = doJSON(t, srv.Client(), http.MethodGet, srv.URL+"/v0/initiatives", nil, map[string]string{
		"X-Api-Key": created.Key,
	})
	if res.StatusCode != http.StatusUnauthorized {
		t.Fatalf("deleted key must stop authenticating, got %d", res.StatusCode)
	}
}

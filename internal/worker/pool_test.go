package worker_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"shipline/internal/config"
	"shipline/internal/db"
	"shipline/internal/domain"
	"shipline/internal/engine"
	"shipline/internal/events"
	"shipline/internal/faults"
	"shipline/internal/migrate"
	"shipline/internal/queue"
	"shipline/internal/worker"
)

type stubHandler struct {
	mu   sync.Mutex
	errs map[domain.JobType]error
	seen []domain.Job
}

func (h *stubHandler) Handle(ctx context.Context, job domain.Job) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.seen = append(h.seen, job)
	return h.errs[job.Type]
}

type poolEnv struct {
	Ctx     context.Context
	Engine  engine.Engine
	Queue   *queue.Queue
	Pool    *worker.Pool
	Handler *stubHandler
	Clock   *time.Time
}

func newPoolEnv(t *testing.T) poolEnv {
	t.Helper()
	conn, err := db.Open(db.Config{Workspace: t.TempDir()})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	if err := migrate.Migrate(conn); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	clock := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	eng := engine.New(conn, config.Default("acme/shop"))
	eng.Now = func() time.Time { return clock }
	q := &queue.Queue{DB: conn, Repo: eng.Repo, Events: events.Writer{DB: conn}, Now: func() time.Time { return clock }}
	handler := &stubHandler{errs: map[domain.JobType]error{}}
	pool := &worker.Pool{Queue: q, Engine: eng, Handler: handler}
	return poolEnv{Ctx: context.Background(), Engine: eng, Queue: q, Pool: pool, Handler: handler, Clock: &clock}
}

func seedInitiative(t *testing.T, env poolEnv) domain.Initiative {
	t.Helper()
	in, err := env.Engine.CreateInitiative(env.Ctx, engine.InitiativeCreateOptions{
		Title:   "Checkout revamp",
		Content: "brief",
		ActorID: "tester",
	})
	if err != nil {
		t.Fatalf("create initiative: %v", err)
	}
	return in
}

func TestRunOnceDispatchesAndAcks(t *testing.T) {
	env := newPoolEnv(t)
	in := seedInitiative(t, env)
	job, _, err := env.Queue.Enqueue(env.Ctx, domain.JobPlanInitiative, in.ID, nil, nil)
	if err != nil {
		t.Fatal(err)
	}
	n, err := env.Pool.RunOnce(env.Ctx, 5)
	if err != nil || n != 1 {
		t.Fatalf("ran %d jobs (%v), want 1", n, err)
	}
	if len(env.Handler.seen) != 1 || env.Handler.seen[0].ID != job.ID {
		t.Fatalf("handler saw %v, want job %s", env.Handler.seen, job.ID)
	}
	got, err := env.Engine.Repo.GetJob(env.Ctx, job.ID)
	if err != nil {
		t.Fatal(err)
	}
	if got.Status != domain.JobDone {
		t.Fatalf("job status = %s, want done", got.Status)
	}
}

func TestTransientErrorRetains(t *testing.T) {
	env := newPoolEnv(t)
	in := seedInitiative(t, env)
	env.Handler.errs[domain.JobQAReview] = errors.New("upstream 502")
	if _, _, err := env.Queue.Enqueue(env.Ctx, domain.JobQAReview, in.ID, nil, nil); err != nil {
		t.Fatal(err)
	}
	if _, err := env.Pool.RunOnce(env.Ctx, 5); err != nil {
		t.Fatal(err)
	}
	jobs, err := env.Engine.Repo.ListJobs(env.Ctx, in.ID, domain.JobPending, 10)
	if err != nil {
		t.Fatal(err)
	}
	if len(jobs) != 1 {
		t.Fatalf("job should be rescheduled pending, got %d", len(jobs))
	}
	// The initiative is untouched by a transient failure.
	got, _ := env.Engine.Repo.GetInitiative(env.Ctx, in.ID)
	if got.Status != domain.InitiativePending {
		t.Fatalf("initiative = %s, want pending", got.Status)
	}
}

func TestDeadLetterFailsEntities(t *testing.T) {
	env := newPoolEnv(t)
	in := seedInitiative(t, env)
	if _, err := env.Engine.MarkPlanning(env.Ctx, in.ID); err != nil {
		t.Fatal(err)
	}
	plan, err := env.Engine.RecordPlan(env.Ctx, in.ID, "s", "{}", []engine.FeatureDraft{{Title: "slice"}}, false, "system")
	if err != nil {
		t.Fatal(err)
	}
	features, _ := env.Engine.Repo.ListFeatures(env.Ctx, plan.ID)
	fid := features[0].ID

	env.Handler.errs[domain.JobDecomposeFeature] = faults.Permanentf("repository acme/shop not found")
	if _, _, err := env.Queue.Enqueue(env.Ctx, domain.JobDecomposeFeature, in.ID, &fid, nil); err != nil {
		t.Fatal(err)
	}
	if _, err := env.Pool.RunOnce(env.Ctx, 5); err != nil {
		t.Fatal(err)
	}

	// Unrecoverable on attempt 1: the job dead-letters and both entities
	// fail synchronously.
	jobs, _ := env.Engine.Repo.ListJobs(env.Ctx, in.ID, domain.JobFailed, 10)
	if len(jobs) != 1 {
		t.Fatalf("failed jobs = %d, want 1", len(jobs))
	}
	f, _ := env.Engine.Repo.GetFeature(env.Ctx, fid)
	if f.Status != domain.FeatureFailed {
		t.Fatalf("feature = %s, want failed", f.Status)
	}
	got, _ := env.Engine.Repo.GetInitiative(env.Ctx, in.ID)
	if got.Status != domain.InitiativeFailed {
		t.Fatalf("initiative = %s, want failed", got.Status)
	}
	if got.ErrorMessage == nil {
		t.Fatalf("failure reason not recorded")
	}
}

func TestAttemptsExhaustionDeadLetters(t *testing.T) {
	env := newPoolEnv(t)
	in := seedInitiative(t, env)
	env.Handler.errs[domain.JobPlanInitiative] = errors.New("model timeout")
	if _, _, err := env.Queue.Enqueue(env.Ctx, domain.JobPlanInitiative, in.ID, nil, nil); err != nil {
		t.Fatal(err)
	}
	for i := 0; i < 3; i++ {
		if _, err := env.Pool.RunOnce(env.Ctx, 5); err != nil {
			t.Fatal(err)
		}
		*env.Clock = env.Clock.Add(10 * time.Minute)
	}
	got, _ := env.Engine.Repo.GetInitiative(env.Ctx, in.ID)
	if got.Status != domain.InitiativeFailed {
		t.Fatalf("initiative = %s after 3 transient failures, want failed", got.Status)
	}
}

func TestReclaimStalledDeadLetterFailsInitiative(t *testing.T) {
	env := newPoolEnv(t)
	env.Queue.MaxStalls = 1
	in := seedInitiative(t, env)
	if _, _, err := env.Queue.Enqueue(env.Ctx, domain.JobDevelopFeature, in.ID, nil, nil); err != nil {
		t.Fatal(err)
	}

	// Lease directly, never ack, and let the lease lapse twice.
	for i := 0; i < 2; i++ {
		if _, err := env.Queue.Lease(env.Ctx, "wedged-worker", 1); err != nil {
			t.Fatal(err)
		}
		*env.Clock = env.Clock.Add(16 * time.Minute)
		env.Pool.ReclaimStalled(env.Ctx)
	}
	got, _ := env.Engine.Repo.GetInitiative(env.Ctx, in.ID)
	if got.Status != domain.InitiativeFailed {
		t.Fatalf("initiative = %s after stall bound, want failed", got.Status)
	}
}

func TestRunStopsOnContextCancel(t *testing.T) {
	env := newPoolEnv(t)
	env.Pool.Workers = 2
	env.Pool.PollInterval = 5 * time.Millisecond
	env.Pool.StallInterval = time.Hour
	ctx, cancel := context.WithCancel(env.Ctx)
	done := make(chan struct{})
	go func() {
		env.Pool.Run(ctx)
		close(done)
	}()
	time.Sleep(20 * time.Millisecond)
	cancel()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatalf("pool did not stop on cancel")
	}
}

// Package worker runs the goroutines that drain the job queue. The
// pool polls for due jobs, hands them to the pipeline dispatcher, and
// reports each outcome back to the queue with the failure classifier's
// verdict.
package worker

import (
	"context"
	"fmt"
	"log"
	"sync"
	"time"

	"shipline/internal/domain"
	"shipline/internal/engine"
	"shipline/internal/faults"
	"shipline/internal/queue"
)

// Handler is the dispatch surface the pool drives, satisfied by
// pipeline.Handlers.
type Handler interface {
	Handle(ctx context.Context, job domain.Job) error
}

type Pool struct {
	Queue   *queue.Queue
	Engine  engine.Engine
	Handler Handler
	Logger  *log.Logger

	// Workers is the fixed concurrency, default 3.
	Workers int
	// PollInterval is the idle sleep between empty polls, default 2s.
	PollInterval time.Duration
	// StallInterval is how often expired leases are reclaimed,
	// default 5m.
	StallInterval time.Duration
}

func (p *Pool) workers() int {
	if p.Workers > 0 {
		return p.Workers
	}
	return 3
}

func (p *Pool) pollInterval() time.Duration {
	if p.PollInterval > 0 {
		return p.PollInterval
	}
	return 2 * time.Second
}

func (p *Pool) stallInterval() time.Duration {
	if p.StallInterval > 0 {
		return p.StallInterval
	}
	return 5 * time.Minute
}

func (p *Pool) logf(format string, args ...any) {
	if p.Logger != nil {
		p.Logger.Printf(format, args...)
	}
}

// Run blocks until ctx is cancelled, then waits for in-flight jobs to
// finish.
func (p *Pool) Run(ctx context.Context) {
	var wg sync.WaitGroup
	for i := 0; i < p.workers(); i++ {
		wg.Add(1)
		workerID := fmt.Sprintf("worker-%d", i+1)
		go func() {
			defer wg.Done()
			p.runWorker(ctx, workerID)
		}()
	}
	wg.Add(1)
	go func() {
		defer wg.Done()
		p.runStallTicker(ctx)
	}()
	wg.Wait()
}

func (p *Pool) runWorker(ctx context.Context, workerID string) {
	for {
		if ctx.Err() != nil {
			return
		}
		jobs, err := p.Queue.Lease(ctx, workerID, 1)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			p.logf("%s: lease: %v", workerID, err)
			jobs = nil
		}
		if len(jobs) == 0 {
			select {
			case <-ctx.Done():
				return
			case <-time.After(p.pollInterval()):
			}
			continue
		}
		for _, job := range jobs {
			p.runJob(ctx, workerID, job)
		}
	}
}

// RunOnce leases and runs at most n jobs, for tests and the one-shot
// CLI drain.
func (p *Pool) RunOnce(ctx context.Context, n int) (int, error) {
	jobs, err := p.Queue.Lease(ctx, "worker-once", n)
	if err != nil {
		return 0, err
	}
	for _, job := range jobs {
		p.runJob(ctx, "worker-once", job)
	}
	return len(jobs), nil
}

func (p *Pool) runJob(ctx context.Context, workerID string, job domain.Job) {
	p.logf("%s: %s job %s (attempt %d/%d)", workerID, job.Type, job.ID, job.Attempt, job.MaxAttempts)
	err := p.Handler.Handle(ctx, job)
	if err == nil {
		if ackErr := p.Queue.Ack(ctx, job, workerID); ackErr != nil {
			p.logf("%s: ack job %s: %v", workerID, job.ID, ackErr)
		}
		return
	}
	unrecoverable := faults.Classify(err) == faults.ClassUnrecoverable
	p.logf("%s: job %s failed (%s): %v", workerID, job.ID, faults.Classify(err), err)
	dead, failErr := p.Queue.Fail(ctx, job, err, unrecoverable)
	if failErr != nil {
		p.logf("%s: record failure of job %s: %v", workerID, job.ID, failErr)
		return
	}
	if dead {
		p.deadLetter(ctx, job, err)
	}
}

// deadLetter surfaces a dead-lettered job on its entities: the feature
// (when the job carries one) and the owning initiative both fail with
// the captured message, synchronously, so status reads never show an
// initiative running with no job left to run it.
func (p *Pool) deadLetter(ctx context.Context, job domain.Job, cause error) {
	reason := fmt.Sprintf("%s job failed permanently: %v", job.Type, cause)
	if job.FeatureID != nil && *job.FeatureID != "" {
		if _, err := p.Engine.MarkFeatureFailed(ctx, *job.FeatureID, reason); err != nil {
			p.logf("mark feature %s failed: %v", *job.FeatureID, err)
		}
	}
	if _, err := p.Engine.MarkInitiativeFailed(ctx, job.InitiativeID, reason); err != nil {
		p.logf("mark initiative %s failed: %v", job.InitiativeID, err)
	}
}

func (p *Pool) runStallTicker(ctx context.Context) {
	ticker := time.NewTicker(p.stallInterval())
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			p.ReclaimStalled(ctx)
		}
	}
}

// ReclaimStalled requeues expired leases and fails the entities of jobs
// that stalled past the bound.
func (p *Pool) ReclaimStalled(ctx context.Context) {
	requeued, deadLettered, err := p.Queue.ReclaimStalled(ctx)
	if err != nil {
		p.logf("reclaim stalled: %v", err)
		return
	}
	for _, job := range requeued {
		p.logf("requeued stalled job %s (%s, stall %d)", job.ID, job.Type, job.StallCount)
	}
	for _, job := range deadLettered {
		p.deadLetter(ctx, job, fmt.Errorf("lease expired %d times", job.StallCount))
	}
}

// Package queue persists pipeline jobs in sqlite and hands them to
// workers under time-bounded leases. Delivery is at least once: a job
// whose worker dies comes back when its lease expires, so handlers must
// tolerate replays.
package queue

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/oklog/ulid/v2"

	"shipline/internal/domain"
	"shipline/internal/events"
	"shipline/internal/repo"
)

type Queue struct {
	DB     *sql.DB
	Repo   repo.Repo
	Events events.Writer
	Now    func() time.Time

	MaxAttempts   int
	BackoffBase   time.Duration
	LeaseDuration time.Duration
	MaxStalls     int
}

func (q *Queue) now() time.Time {
	if q.Now != nil {
		return q.Now()
	}
	return time.Now()
}

func (q *Queue) stamp(t time.Time) string {
	return t.UTC().Format(time.RFC3339)
}

func (q *Queue) maxAttempts() int {
	if q.MaxAttempts > 0 {
		return q.MaxAttempts
	}
	return 3
}

func (q *Queue) backoffBase() time.Duration {
	if q.BackoffBase > 0 {
		return q.BackoffBase
	}
	return 5 * time.Second
}

func (q *Queue) lease() time.Duration {
	if q.LeaseDuration > 0 {
		return q.LeaseDuration
	}
	return 15 * time.Minute
}

func (q *Queue) maxStalls() int {
	if q.MaxStalls > 0 {
		return q.MaxStalls
	}
	return 3
}

// DedupKey identifies the logical unit of work independent of timing.
// Two requests for the same stage of the same entity collapse onto one
// live job.
func DedupKey(typ domain.JobType, initiativeID string, featureID *string) string {
	fid := "none"
	if featureID != nil && *featureID != "" {
		fid = *featureID
	}
	return fmt.Sprintf("%s:%s:%s", typ, initiativeID, fid)
}

// Enqueue inserts a job unless a pending or leased job with the same
// dedup key already exists, in which case the existing job is returned
// and the boolean is false.
func (q *Queue) Enqueue(ctx context.Context, typ domain.JobType, initiativeID string, featureID *string, payload any) (domain.Job, bool, error) {
	if !typ.Valid() {
		return domain.Job{}, false, fmt.Errorf("unknown job type %q", typ)
	}
	var payloadJSON string
	if payload != nil {
		b, err := json.Marshal(payload)
		if err != nil {
			return domain.Job{}, false, fmt.Errorf("marshal job payload: %w", err)
		}
		payloadJSON = string(b)
	}
	tx, err := q.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Job{}, false, err
	}
	defer tx.Rollback()

	key := DedupKey(typ, initiativeID, featureID)
	existing, err := q.Repo.LiveJobByDedupKeyTx(ctx, tx, key)
	if err == nil {
		return existing, false, nil
	}
	if err != repo.ErrNotFound {
		return domain.Job{}, false, err
	}

	now := q.now()
	ts := q.stamp(now)
	job := domain.Job{
		ID:           ulid.MustNew(ulid.Timestamp(now), ulid.DefaultEntropy()).String(),
		Type:         typ,
		InitiativeID: initiativeID,
		FeatureID:    featureID,
		PayloadJSON:  payloadJSON,
		DedupKey:     key,
		Status:       domain.JobPending,
		MaxAttempts:  q.maxAttempts(),
		RunAt:        ts,
		CreatedAt:    ts,
		UpdatedAt:    ts,
	}
	if err := q.Repo.InsertJobTx(ctx, tx, job); err != nil {
		tx.Rollback()
		// A racing enqueue can win the dedup index between our check
		// and the insert. The loser hands back the winner's job.
		if existing, lookupErr := q.Repo.LiveJobByDedupKey(ctx, key); lookupErr == nil {
			return existing, false, nil
		}
		return domain.Job{}, false, fmt.Errorf("insert job: %w", err)
	}
	if err := q.Events.Append(ctx, tx, "job.enqueued", initiativeID, "job", job.ID, "system", events.EventPayload{
		"type": string(typ), "dedup_key": key,
	}); err != nil {
		return domain.Job{}, false, err
	}
	if err := tx.Commit(); err != nil {
		return domain.Job{}, false, err
	}
	return job, true, nil
}

// Lease claims up to n due jobs for a worker. Claimed jobs return with
// attempt bumped and the lease fields set.
func (q *Queue) Lease(ctx context.Context, workerID string, n int) ([]domain.Job, error) {
	if n <= 0 {
		n = 1
	}
	tx, err := q.DB.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback()

	now := q.now()
	ts := q.stamp(now)
	expires := q.stamp(now.Add(q.lease()))
	due, err := q.Repo.DueJobsTx(ctx, tx, ts, n)
	if err != nil {
		return nil, err
	}
	var claimed []domain.Job
	for _, job := range due {
		ok, err := q.Repo.MarkLeasedTx(ctx, tx, job.ID, workerID, expires, ts)
		if err != nil {
			return nil, err
		}
		if !ok {
			continue
		}
		job.Status = domain.JobLeased
		job.Attempt++
		job.LeaseOwner = &workerID
		job.LeaseExpiresAt = &expires
		job.UpdatedAt = ts
		claimed = append(claimed, job)
	}
	if err := tx.Commit(); err != nil {
		return nil, err
	}
	return claimed, nil
}

// Ack marks a job done. It is a no-op when the caller no longer holds
// the lease.
func (q *Queue) Ack(ctx context.Context, job domain.Job, workerID string) error {
	tx, err := q.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	ts := q.stamp(q.now())
	ok, err := q.Repo.MarkDoneTx(ctx, tx, job.ID, workerID, ts)
	if err != nil {
		return err
	}
	if !ok {
		return tx.Commit()
	}
	if err := q.Events.Append(ctx, tx, "job.done", job.InitiativeID, "job", job.ID, workerID, events.EventPayload{
		"type": string(job.Type), "attempt": job.Attempt,
	}); err != nil {
		return err
	}
	return tx.Commit()
}

// Fail records a failed attempt. Transient failures are rescheduled with
// exponential backoff until attempts run out; unrecoverable failures
// dead-letter immediately. The boolean reports whether the job was
// dead-lettered.
func (q *Queue) Fail(ctx context.Context, job domain.Job, failErr error, unrecoverable bool) (bool, error) {
	tx, err := q.DB.BeginTx(ctx, nil)
	if err != nil {
		return false, err
	}
	defer tx.Rollback()

	now := q.now()
	ts := q.stamp(now)
	msg := failErr.Error()
	dead := unrecoverable || job.Attempt >= job.MaxAttempts
	if dead {
		if err := q.Repo.DeadLetterTx(ctx, tx, job.ID, &msg, ts); err != nil {
			return false, err
		}
		reason := "attempts_exhausted"
		if unrecoverable {
			reason = "unrecoverable"
		}
		if err := q.Events.Append(ctx, tx, "job.dead_lettered", job.InitiativeID, "job", job.ID, "system", events.EventPayload{
			"type": string(job.Type), "attempt": job.Attempt, "reason": reason, "error": msg,
		}); err != nil {
			return false, err
		}
		return true, tx.Commit()
	}

	runAt := q.stamp(now.Add(q.Backoff(job.Attempt)))
	if err := q.Repo.RescheduleTx(ctx, tx, job.ID, runAt, &msg, ts); err != nil {
		return false, err
	}
	if err := q.Events.Append(ctx, tx, "job.retry_scheduled", job.InitiativeID, "job", job.ID, "system", events.EventPayload{
		"type": string(job.Type), "attempt": job.Attempt, "run_at": runAt, "error": msg,
	}); err != nil {
		return false, err
	}
	return false, tx.Commit()
}

// Backoff returns the delay before the attempt after the given one:
// base*5^(attempt-1), so 5s, 25s, 125s with the default base.
func (q *Queue) Backoff(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	d := q.backoffBase()
	for i := 1; i < attempt; i++ {
		d *= 5
	}
	return d
}

// ExtendLease pushes out the lease expiry for a job the worker still
// holds. Handlers call it between long stage steps.
func (q *Queue) ExtendLease(ctx context.Context, job domain.Job, workerID string) error {
	tx, err := q.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	now := q.now()
	ok, err := q.Repo.ExtendLeaseTx(ctx, tx, job.ID, workerID, q.stamp(now.Add(q.lease())), q.stamp(now))
	if err != nil {
		return err
	}
	if !ok {
		return fmt.Errorf("job %s: lease no longer held by %s", job.ID, workerID)
	}
	return tx.Commit()
}

// ReclaimStalled requeues leased jobs whose lease expired and
// dead-letters jobs that stalled too many times. It returns the jobs it
// dead-lettered so the caller can fail their initiatives.
func (q *Queue) ReclaimStalled(ctx context.Context) (requeued, deadLettered []domain.Job, err error) {
	tx, err := q.DB.BeginTx(ctx, nil)
	if err != nil {
		return nil, nil, err
	}
	defer tx.Rollback()

	now := q.now()
	ts := q.stamp(now)
	expired, err := q.Repo.ExpiredLeaseJobsTx(ctx, tx, ts)
	if err != nil {
		return nil, nil, err
	}
	for _, job := range expired {
		if job.StallCount+1 > q.maxStalls() {
			msg := fmt.Sprintf("lease expired %d times", job.StallCount+1)
			if err := q.Repo.DeadLetterTx(ctx, tx, job.ID, &msg, ts); err != nil {
				return nil, nil, err
			}
			if err := q.Events.Append(ctx, tx, "job.dead_lettered", job.InitiativeID, "job", job.ID, "system", events.EventPayload{
				"type": string(job.Type), "reason": "stalled", "stall_count": job.StallCount + 1,
			}); err != nil {
				return nil, nil, err
			}
			job.Status = domain.JobFailed
			job.StallCount++
			deadLettered = append(deadLettered, job)
			continue
		}
		if err := q.Repo.RescheduleStalledTx(ctx, tx, job.ID, ts, ts); err != nil {
			return nil, nil, err
		}
		if err := q.Events.Append(ctx, tx, "job.reclaimed", job.InitiativeID, "job", job.ID, "system", events.EventPayload{
			"type": string(job.Type), "stall_count": job.StallCount + 1,
		}); err != nil {
			return nil, nil, err
		}
		job.Status = domain.JobPending
		job.StallCount++
		job.LeaseOwner = nil
		job.LeaseExpiresAt = nil
		requeued = append(requeued, job)
	}
	return requeued, deadLettered, tx.Commit()
}

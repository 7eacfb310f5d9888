package repo

import (
	"context"
	"database/sql"
	"fmt"
	"strings"

	"shipline/internal/domain"
)

const jobColumns = `id,type,initiative_id,feature_id,payload_json,dedup_key,status,attempt,max_attempts,run_at,lease_owner,lease_expires_at,stall_count,last_error,created_at,updated_at`

func scanJob(scan func(dest ...any) error) (domain.Job, error) {
	var j domain.Job
	var featureID, payload, owner, leaseExpires, lastErr sql.NullString
	err := scan(&j.ID, &j.Type, &j.InitiativeID, &featureID, &payload, &j.DedupKey, &j.Status, &j.Attempt,
		&j.MaxAttempts, &j.RunAt, &owner, &leaseExpires, &j.StallCount, &lastErr, &j.CreatedAt, &j.UpdatedAt)
	if err == sql.ErrNoRows {
		return j, ErrNotFound
	}
	if err != nil {
		return j, err
	}
	if featureID.Valid {
		j.FeatureID = &featureID.String
	}
	j.PayloadJSON = payload.String
	if owner.Valid {
		j.LeaseOwner = &owner.String
	}
	if leaseExpires.Valid {
		j.LeaseExpiresAt = &leaseExpires.String
	}
	if lastErr.Valid {
		j.LastError = &lastErr.String
	}
	return j, nil
}

func (r Repo) InsertJobTx(ctx context.Context, tx *sql.Tx, j domain.Job) error {
	_, err := tx.ExecContext(ctx, `INSERT INTO jobs(`+jobColumns+`) VALUES (?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?)`,
		j.ID, j.Type, j.InitiativeID, nullableStringPtr(j.FeatureID), nullable(j.PayloadJSON), j.DedupKey,
		j.Status, j.Attempt, j.MaxAttempts, j.RunAt, nullableStringPtr(j.LeaseOwner),
		nullableStringPtr(j.LeaseExpiresAt), j.StallCount, nullableStringPtr(j.LastError), j.CreatedAt, j.UpdatedAt)
	return err
}

// LiveJobByDedupKeyTx returns the pending or leased job holding the dedup
// key, if any.
func (r Repo) LiveJobByDedupKeyTx(ctx context.Context, tx *sql.Tx, dedupKey string) (domain.Job, error) {
	row := tx.QueryRowContext(ctx, `SELECT `+jobColumns+` FROM jobs WHERE dedup_key=? AND status IN ('pending','leased')`, dedupKey)
	return scanJob(row.Scan)
}

// LiveJobByDedupKey is LiveJobByDedupKeyTx outside a transaction.
func (r Repo) LiveJobByDedupKey(ctx context.Context, dedupKey string) (domain.Job, error) {
	row := r.DB.QueryRowContext(ctx, `SELECT `+jobColumns+` FROM jobs WHERE dedup_key=? AND status IN ('pending','leased')`, dedupKey)
	return scanJob(row.Scan)
}

func (r Repo) GetJob(ctx context.Context, id string) (domain.Job, error) {
	row := r.DB.QueryRowContext(ctx, `SELECT `+jobColumns+` FROM jobs WHERE id=?`, id)
	return scanJob(row.Scan)
}

// DueJobsTx returns pending jobs whose run_at has passed, oldest first.
// Job IDs are ULIDs so ties on run_at break in enqueue order.
func (r Repo) DueJobsTx(ctx context.Context, tx *sql.Tx, now string, limit int) ([]domain.Job, error) {
	rows, err := tx.QueryContext(ctx, `SELECT `+jobColumns+` FROM jobs WHERE status='pending' AND run_at<=? ORDER BY run_at ASC, id ASC LIMIT ?`, now, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return collectJobs(rows)
}

// ExpiredLeaseJobsTx returns leased jobs whose lease has lapsed.
func (r Repo) ExpiredLeaseJobsTx(ctx context.Context, tx *sql.Tx, now string) ([]domain.Job, error) {
	rows, err := tx.QueryContext(ctx, `SELECT `+jobColumns+` FROM jobs WHERE status='leased' AND lease_expires_at<? ORDER BY lease_expires_at ASC`, now)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return collectJobs(rows)
}

func collectJobs(rows *sql.Rows) ([]domain.Job, error) {
	var res []domain.Job
	for rows.Next() {
		j, err := scanJob(rows.Scan)
		if err != nil {
			return nil, err
		}
		res = append(res, j)
	}
	return res, rows.Err()
}

// MarkLeasedTx claims a pending job for a worker and bumps the attempt
// counter. It reports false when another worker got there first.
func (r Repo) MarkLeasedTx(ctx context.Context, tx *sql.Tx, id, owner, leaseExpiresAt, now string) (bool, error) {
	res, err := tx.ExecContext(ctx, `UPDATE jobs SET status='leased', attempt=attempt+1, lease_owner=?, lease_expires_at=?, updated_at=? WHERE id=? AND status='pending'`,
		owner, leaseExpiresAt, now, id)
	if err != nil {
		return false, err
	}
	n, _ := res.RowsAffected()
	return n > 0, nil
}

func (r Repo) MarkDoneTx(ctx context.Context, tx *sql.Tx, id, owner, now string) (bool, error) {
	res, err := tx.ExecContext(ctx, `UPDATE jobs SET status='done', lease_owner=NULL, lease_expires_at=NULL, updated_at=? WHERE id=? AND status='leased' AND lease_owner=?`,
		now, id, owner)
	if err != nil {
		return false, err
	}
	n, _ := res.RowsAffected()
	return n > 0, nil
}

// RescheduleTx returns a leased job to pending with a new run_at.
func (r Repo) RescheduleTx(ctx context.Context, tx *sql.Tx, id, runAt string, lastError *string, now string) error {
	_, err := tx.ExecContext(ctx, `UPDATE jobs SET status='pending', run_at=?, lease_owner=NULL, lease_expires_at=NULL, last_error=?, updated_at=? WHERE id=?`,
		runAt, nullableStringPtr(lastError), now, id)
	return err
}

// RescheduleStalledTx is RescheduleTx plus a stall counter bump, used by
// lease reclamation.
func (r Repo) RescheduleStalledTx(ctx context.Context, tx *sql.Tx, id, runAt, now string) error {
	_, err := tx.ExecContext(ctx, `UPDATE jobs SET status='pending', run_at=?, lease_owner=NULL, lease_expires_at=NULL, stall_count=stall_count+1, updated_at=? WHERE id=?`,
		runAt, now, id)
	return err
}

func (r Repo) DeadLetterTx(ctx context.Context, tx *sql.Tx, id string, lastError *string, now string) error {
	_, err := tx.ExecContext(ctx, `UPDATE jobs SET status='failed', lease_owner=NULL, lease_expires_at=NULL, last_error=?, updated_at=? WHERE id=?`,
		nullableStringPtr(lastError), now, id)
	return err
}

func (r Repo) ExtendLeaseTx(ctx context.Context, tx *sql.Tx, id, owner, leaseExpiresAt, now string) (bool, error) {
	res, err := tx.ExecContext(ctx, `UPDATE jobs SET lease_expires_at=?, updated_at=? WHERE id=? AND status='leased' AND lease_owner=?`,
		leaseExpiresAt, now, id, owner)
	if err != nil {
		return false, err
	}
	n, _ := res.RowsAffected()
	return n > 0, nil
}

func (r Repo) ListJobs(ctx context.Context, initiativeID string, status domain.JobStatus, limit int) ([]domain.Job, error) {
	clauses := []string{"1=1"}
	var args []any
	if initiativeID != "" {
		clauses = append(clauses, "initiative_id=?")
		args = append(args, initiativeID)
	}
	if status != "" {
		clauses = append(clauses, "status=?")
		args = append(args, status)
	}
	if limit <= 0 {
		limit = 100
	}
	query := fmt.Sprintf(`SELECT `+jobColumns+` FROM jobs WHERE %s ORDER BY created_at DESC, id DESC LIMIT ?`, strings.Join(clauses, " AND "))
	args = append(args, limit)
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return collectJobs(rows)
}

func (r Repo) CountJobsByStatus(ctx context.Context, initiativeID string) (map[domain.JobStatus]int, error) {
	query := `SELECT status, COUNT(*) FROM jobs`
	var args []any
	if initiativeID != "" {
		query += ` WHERE initiative_id=?`
		args = append(args, initiativeID)
	}
	query += ` GROUP BY status`
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	counts := map[domain.JobStatus]int{}
	for rows.Next() {
		var s domain.JobStatus
		var n int
		if err := rows.Scan(&s, &n); err != nil {
			return nil, err
		}
		counts[s] = n
	}
	return counts, rows.Err()
}

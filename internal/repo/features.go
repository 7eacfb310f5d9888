package repo

import (
	"context"
	"database/sql"

	"shipline/internal/domain"
)

const featureColumns = `id,plan_id,initiative_id,sequence,title,description,acceptance_json,branch_name,pr_number,pr_url,status,rejection_feedback,retry_count,created_at,updated_at`

func scanFeature(scan func(dest ...any) error) (domain.Feature, error) {
	var f domain.Feature
	var desc, acceptance, branch, prURL, feedback sql.NullString
	var prNumber sql.NullInt64
	err := scan(&f.ID, &f.PlanID, &f.InitiativeID, &f.Sequence, &f.Title, &desc, &acceptance, &branch,
		&prNumber, &prURL, &f.Status, &feedback, &f.RetryCount, &f.CreatedAt, &f.UpdatedAt)
	if err == sql.ErrNoRows {
		return f, ErrNotFound
	}
	if err != nil {
		return f, err
	}
	f.Description = desc.String
	if acceptance.Valid {
		f.AcceptanceJSON = &acceptance.String
	}
	if branch.Valid {
		f.BranchName = &branch.String
	}
	if prNumber.Valid {
		n := int(prNumber.Int64)
		f.PRNumber = &n
	}
	if prURL.Valid {
		f.PRURL = &prURL.String
	}
	if feedback.Valid {
		f.RejectionFeedback = &feedback.String
	}
	return f, nil
}

func (r Repo) InsertFeatureTx(ctx context.Context, tx *sql.Tx, f domain.Feature) error {
	_, err := tx.ExecContext(ctx, `INSERT INTO features(`+featureColumns+`) VALUES (?,?,?,?,?,?,?,?,?,?,?,?,?,?,?)`,
		f.ID, f.PlanID, f.InitiativeID, f.Sequence, f.Title, nullable(f.Description), nullableStringPtr(f.AcceptanceJSON),
		nullableStringPtr(f.BranchName), nullableIntPtr(f.PRNumber), nullableStringPtr(f.PRURL), f.Status,
		nullableStringPtr(f.RejectionFeedback), f.RetryCount, f.CreatedAt, f.UpdatedAt)
	return err
}

func (r Repo) GetFeature(ctx context.Context, id string) (domain.Feature, error) {
	row := r.DB.QueryRowContext(ctx, `SELECT `+featureColumns+` FROM features WHERE id=?`, id)
	return scanFeature(row.Scan)
}

func (r Repo) GetFeatureTx(ctx context.Context, tx *sql.Tx, id string) (domain.Feature, error) {
	row := tx.QueryRowContext(ctx, `SELECT `+featureColumns+` FROM features WHERE id=?`, id)
	return scanFeature(row.Scan)
}

// ListFeatures returns the features of the active plan in delivery order.
func (r Repo) ListFeatures(ctx context.Context, planID string) ([]domain.Feature, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT `+featureColumns+` FROM features WHERE plan_id=? ORDER BY sequence ASC`, planID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return collectFeatures(rows)
}

func (r Repo) ListFeaturesTx(ctx context.Context, tx *sql.Tx, planID string) ([]domain.Feature, error) {
	rows, err := tx.QueryContext(ctx, `SELECT `+featureColumns+` FROM features WHERE plan_id=? ORDER BY sequence ASC`, planID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return collectFeatures(rows)
}

func collectFeatures(rows *sql.Rows) ([]domain.Feature, error) {
	var res []domain.Feature
	for rows.Next() {
		f, err := scanFeature(rows.Scan)
		if err != nil {
			return nil, err
		}
		res = append(res, f)
	}
	return res, rows.Err()
}

func (r Repo) UpdateFeatureTx(ctx context.Context, tx *sql.Tx, f domain.Feature) error {
	res, err := tx.ExecContext(ctx, `UPDATE features SET acceptance_json=?, branch_name=?, pr_number=?, pr_url=?, status=?, rejection_feedback=?, retry_count=?, updated_at=? WHERE id=?`,
		nullableStringPtr(f.AcceptanceJSON), nullableStringPtr(f.BranchName), nullableIntPtr(f.PRNumber),
		nullableStringPtr(f.PRURL), f.Status, nullableStringPtr(f.RejectionFeedback), f.RetryCount, f.UpdatedAt, f.ID)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

const taskColumns = `id,feature_id,sequence,title,description,task_type,target_paths_json,status,output_json,created_at,updated_at`

func scanTask(scan func(dest ...any) error) (domain.Task, error) {
	var t domain.Task
	var desc, targets, output sql.NullString
	err := scan(&t.ID, &t.FeatureID, &t.Sequence, &t.Title, &desc, &t.TaskType, &targets, &t.Status, &output, &t.CreatedAt, &t.UpdatedAt)
	if err == sql.ErrNoRows {
		return t, ErrNotFound
	}
	if err != nil {
		return t, err
	}
	t.Description = desc.String
	if targets.Valid {
		t.TargetPathsJSON = &targets.String
	}
	if output.Valid {
		t.OutputJSON = &output.String
	}
	return t, nil
}

func (r Repo) InsertTaskTx(ctx context.Context, tx *sql.Tx, t domain.Task) error {
	_, err := tx.ExecContext(ctx, `INSERT INTO tasks(`+taskColumns+`) VALUES (?,?,?,?,?,?,?,?,?,?,?)`,
		t.ID, t.FeatureID, t.Sequence, t.Title, nullable(t.Description), t.TaskType,
		nullableStringPtr(t.TargetPathsJSON), t.Status, nullableStringPtr(t.OutputJSON), t.CreatedAt, t.UpdatedAt)
	return err
}

func (r Repo) ListTasks(ctx context.Context, featureID string) ([]domain.Task, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT `+taskColumns+` FROM tasks WHERE feature_id=? ORDER BY sequence ASC`, featureID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Task
	for rows.Next() {
		t, err := scanTask(rows.Scan)
		if err != nil {
			return nil, err
		}
		res = append(res, t)
	}
	return res, rows.Err()
}

func (r Repo) UpdateTaskTx(ctx context.Context, tx *sql.Tx, t domain.Task) error {
	res, err := tx.ExecContext(ctx, `UPDATE tasks SET status=?, output_json=?, updated_at=? WHERE id=?`,
		t.Status, nullableStringPtr(t.OutputJSON), t.UpdatedAt, t.ID)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// FailInFlightTasksTx fails a feature's in-flight tasks so nothing is
// left reported as doing after the feature itself failed.
func (r Repo) FailInFlightTasksTx(ctx context.Context, tx *sql.Tx, featureID, now string) error {
	_, err := tx.ExecContext(ctx, `UPDATE tasks SET status=?, updated_at=? WHERE feature_id=? AND status=?`,
		domain.TaskFailed, now, featureID, domain.TaskDoing)
	return err
}

// DeleteTasksTx removes a feature's tasks so decomposition can be replayed
// without duplicating rows.
func (r Repo) DeleteTasksTx(ctx context.Context, tx *sql.Tx, featureID string) error {
	_, err := tx.ExecContext(ctx, `DELETE FROM tasks WHERE feature_id=?`, featureID)
	return err
}

func (r Repo) CountTasksByStatus(ctx context.Context, featureID string) (map[domain.TaskStatus]int, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT status, COUNT(*) FROM tasks WHERE feature_id=? GROUP BY status`, featureID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	counts := map[domain.TaskStatus]int{}
	for rows.Next() {
		var s domain.TaskStatus
		var n int
		if err := rows.Scan(&s, &n); err != nil {
			return nil, err
		}
		counts[s] = n
	}
	return counts, rows.Err()
}

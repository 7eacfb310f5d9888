package repo

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"shipline/internal/domain"
)

type Repo struct {
	DB *sql.DB
}

var ErrNotFound = errors.New("not found")

const initiativeColumns = `id,title,content_json,source_document_id,status,error_message,metadata_json,created_at,updated_at`

func scanInitiative(scan func(dest ...any) error) (domain.Initiative, error) {
	var in domain.Initiative
	var content, sourceDoc, errMsg, metadata sql.NullString
	err := scan(&in.ID, &in.Title, &content, &sourceDoc, &in.Status, &errMsg, &metadata, &in.CreatedAt, &in.UpdatedAt)
	if err == sql.ErrNoRows {
		return in, ErrNotFound
	}
	if err != nil {
		return in, err
	}
	if content.Valid {
		in.ContentJSON = &content.String
	}
	if sourceDoc.Valid {
		in.SourceDocumentID = &sourceDoc.String
	}
	if errMsg.Valid {
		in.ErrorMessage = &errMsg.String
	}
	if metadata.Valid && metadata.String != "" {
		_ = json.Unmarshal([]byte(metadata.String), &in.Metadata)
	}
	return in, nil
}

func (r Repo) InsertInitiativeTx(ctx context.Context, tx *sql.Tx, in domain.Initiative) error {
	metadata, err := marshalMetadata(in.Metadata)
	if err != nil {
		return err
	}
	_, err = tx.ExecContext(ctx, `INSERT INTO initiatives(`+initiativeColumns+`) VALUES (?,?,?,?,?,?,?,?,?)`,
		in.ID, in.Title, nullableStringPtr(in.ContentJSON), nullableStringPtr(in.SourceDocumentID), in.Status,
		nullableStringPtr(in.ErrorMessage), metadata, in.CreatedAt, in.UpdatedAt)
	return err
}

func (r Repo) GetInitiative(ctx context.Context, id string) (domain.Initiative, error) {
	row := r.DB.QueryRowContext(ctx, `SELECT `+initiativeColumns+` FROM initiatives WHERE id=?`, id)
	return scanInitiative(row.Scan)
}

func (r Repo) GetInitiativeTx(ctx context.Context, tx *sql.Tx, id string) (domain.Initiative, error) {
	row := tx.QueryRowContext(ctx, `SELECT `+initiativeColumns+` FROM initiatives WHERE id=?`, id)
	return scanInitiative(row.Scan)
}

func (r Repo) ListInitiatives(ctx context.Context, limit int) ([]domain.Initiative, error) {
	query := `SELECT ` + initiativeColumns + ` FROM initiatives ORDER BY created_at DESC, id DESC`
	var args []any
	if limit > 0 {
		query += ` LIMIT ?`
		args = append(args, limit)
	}
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Initiative
	for rows.Next() {
		in, err := scanInitiative(rows.Scan)
		if err != nil {
			return nil, err
		}
		res = append(res, in)
	}
	return res, rows.Err()
}

// UpdateInitiativeStatusTx writes status, error message and refreshed
// metadata in one statement. The pipeline is the only caller.
func (r Repo) UpdateInitiativeStatusTx(ctx context.Context, tx *sql.Tx, id string, status domain.InitiativeStatus, errMsg *string, updatedAt string) error {
	res, err := tx.ExecContext(ctx, `UPDATE initiatives SET status=?, error_message=?, updated_at=? WHERE id=?`,
		status, nullableStringPtr(errMsg), updatedAt, id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func (r Repo) UpdateInitiativeContentTx(ctx context.Context, tx *sql.Tx, id string, content *string, updatedAt string) error {
	res, err := tx.ExecContext(ctx, `UPDATE initiatives SET content_json=?, updated_at=? WHERE id=?`, nullableStringPtr(content), updatedAt, id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func (r Repo) UpdateInitiativeMetadataTx(ctx context.Context, tx *sql.Tx, id string, metadata map[string]string, updatedAt string) error {
	payload, err := marshalMetadata(metadata)
	if err != nil {
		return err
	}
	res, err := tx.ExecContext(ctx, `UPDATE initiatives SET metadata_json=?, updated_at=? WHERE id=?`, payload, updatedAt, id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

const planColumns = `id,initiative_id,version,summary,raw_json,feature_count,is_active,created_at`

func scanPlan(scan func(dest ...any) error) (domain.Plan, error) {
	var p domain.Plan
	var raw sql.NullString
	err := scan(&p.ID, &p.InitiativeID, &p.Version, &p.Summary, &raw, &p.FeatureCount, &p.IsActive, &p.CreatedAt)
	if err == sql.ErrNoRows {
		return p, ErrNotFound
	}
	if raw.Valid {
		p.RawJSON = raw.String
	}
	return p, err
}

// InsertPlanTx deactivates any previously active plan for the initiative
// in the same transaction as the insert, so readers never observe two
// active plans.
func (r Repo) InsertPlanTx(ctx context.Context, tx *sql.Tx, p domain.Plan) error {
	if p.IsActive {
		if _, err := tx.ExecContext(ctx, `UPDATE plans SET is_active=0 WHERE initiative_id=? AND is_active=1`, p.InitiativeID); err != nil {
			return fmt.Errorf("deactivate previous plan: %w", err)
		}
	}
	_, err := tx.ExecContext(ctx, `INSERT INTO plans(`+planColumns+`) VALUES (?,?,?,?,?,?,?,?)`,
		p.ID, p.InitiativeID, p.Version, p.Summary, nullable(p.RawJSON), p.FeatureCount, p.IsActive, p.CreatedAt)
	return err
}

func (r Repo) ActivePlan(ctx context.Context, initiativeID string) (domain.Plan, error) {
	row := r.DB.QueryRowContext(ctx, `SELECT `+planColumns+` FROM plans WHERE initiative_id=? AND is_active=1`, initiativeID)
	return scanPlan(row.Scan)
}

func (r Repo) NextPlanVersionTx(ctx context.Context, tx *sql.Tx, initiativeID string) (int, error) {
	var v int
	if err := tx.QueryRowContext(ctx, `SELECT COALESCE(MAX(version),0)+1 FROM plans WHERE initiative_id=?`, initiativeID).Scan(&v); err != nil {
		return 0, err
	}
	return v, nil
}

func (r Repo) ListPlans(ctx context.Context, initiativeID string) ([]domain.Plan, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT `+planColumns+` FROM plans WHERE initiative_id=? ORDER BY version ASC`, initiativeID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Plan
	for rows.Next() {
		p, err := scanPlan(rows.Scan)
		if err != nil {
			return nil, err
		}
		res = append(res, p)
	}
	return res, rows.Err()
}

func (r Repo) CountActivePlans(ctx context.Context, initiativeID string) (int, error) {
	var n int
	err := r.DB.QueryRowContext(ctx, `SELECT COUNT(*) FROM plans WHERE initiative_id=? AND is_active=1`, initiativeID).Scan(&n)
	return n, err
}

func (r Repo) InsertSummaryTx(ctx context.Context, tx *sql.Tx, s domain.Summary) error {
	_, err := tx.ExecContext(ctx, `INSERT INTO summaries(id,initiative_id,features_merged,tasks_completed,rejection_rounds,pr_urls_json,created_at) VALUES (?,?,?,?,?,?,?)`,
		s.ID, s.InitiativeID, s.FeaturesMerged, s.TasksCompleted, s.RejectionRounds, nullable(s.PRURLsJSON), s.CreatedAt)
	return err
}

func (r Repo) GetSummary(ctx context.Context, initiativeID string) (domain.Summary, error) {
	var s domain.Summary
	var prURLs sql.NullString
	err := r.DB.QueryRowContext(ctx, `SELECT id,initiative_id,features_merged,tasks_completed,rejection_rounds,pr_urls_json,created_at FROM summaries WHERE initiative_id=? ORDER BY created_at DESC LIMIT 1`, initiativeID).
		Scan(&s.ID, &s.InitiativeID, &s.FeaturesMerged, &s.TasksCompleted, &s.RejectionRounds, &prURLs, &s.CreatedAt)
	if err == sql.ErrNoRows {
		return s, ErrNotFound
	}
	if prURLs.Valid {
		s.PRURLsJSON = prURLs.String
	}
	return s, err
}

func (r Repo) LatestEvents(ctx context.Context, limit int, initiativeID, evtType, entityKind, entityID string) ([]domain.Event, error) {
	return r.LatestEventsFrom(ctx, limit, 0, initiativeID, evtType, entityKind, entityID)
}

func (r Repo) LatestEventsFrom(ctx context.Context, limit int, cursor int64, initiativeID, evtType, entityKind, entityID string) ([]domain.Event, error) {
	clauses := []string{"1=1"}
	var args []any
	if initiativeID != "" {
		clauses = append(clauses, "initiative_id=?")
		args = append(args, initiativeID)
	}
	if evtType != "" {
		clauses = append(clauses, "type=?")
		args = append(args, evtType)
	}
	if entityKind != "" {
		clauses = append(clauses, "entity_kind=?")
		args = append(args, entityKind)
	}
	if entityID != "" {
		clauses = append(clauses, "entity_id=?")
		args = append(args, entityID)
	}
	if cursor > 0 {
		clauses = append(clauses, "id<?")
		args = append(args, cursor)
	}
	where := "WHERE " + strings.Join(clauses, " AND ")
	query := fmt.Sprintf(`SELECT id,ts,type,initiative_id,entity_kind,entity_id,actor_id,payload_json FROM events %s ORDER BY id DESC LIMIT ?`, where)
	args = append(args, limit)
	return r.queryEvents(ctx, query, args...)
}

// EventsAfter returns events with IDs greater than the cursor in ascending order.
func (r Repo) EventsAfter(ctx context.Context, limit int, cursor int64, initiativeID string) ([]domain.Event, error) {
	if limit <= 0 {
		limit = 100
	}
	clauses := []string{"1=1"}
	var args []any
	if initiativeID != "" {
		clauses = append(clauses, "initiative_id=?")
		args = append(args, initiativeID)
	}
	if cursor > 0 {
		clauses = append(clauses, "id>?")
		args = append(args, cursor)
	}
	where := "WHERE " + strings.Join(clauses, " AND ")
	query := fmt.Sprintf(`SELECT id,ts,type,initiative_id,entity_kind,entity_id,actor_id,payload_json FROM events %s ORDER BY id ASC LIMIT ?`, where)
	args = append(args, limit)
	return r.queryEvents(ctx, query, args...)
}

func (r Repo) queryEvents(ctx context.Context, query string, args ...any) ([]domain.Event, error) {
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Event
	for rows.Next() {
		var e domain.Event
		var initiativeID, entityID, payload sql.NullString
		if err := rows.Scan(&e.ID, &e.TS, &e.Type, &initiativeID, &e.EntityKind, &entityID, &e.ActorID, &payload); err != nil {
			return nil, err
		}
		if initiativeID.Valid {
			e.InitiativeID = initiativeID.String
		}
		if entityID.Valid {
			e.EntityID = entityID.String
		}
		if payload.Valid {
			e.Payload = payload.String
		}
		res = append(res, e)
	}
	return res, rows.Err()
}

// LatestEventID returns the most recent event ID, optionally scoped to an
// initiative.
func (r Repo) LatestEventID(ctx context.Context, initiativeID string) (int64, error) {
	query := `SELECT COALESCE(MAX(id),0) FROM events`
	var args []any
	if initiativeID != "" {
		query += ` WHERE initiative_id=?`
		args = append(args, initiativeID)
	}
	var id int64
	if err := r.DB.QueryRowContext(ctx, query, args...).Scan(&id); err != nil {
		return 0, err
	}
	return id, nil
}

func marshalMetadata(m map[string]string) (any, error) {
	if len(m) == 0 {
		return nil, nil
	}
	b, err := json.Marshal(m)
	if err != nil {
		return nil, fmt.Errorf("marshal metadata: %w", err)
	}
	return string(b), nil
}

func nullable(v string) any {
	if v == "" {
		return nil
	}
	return v
}

func nullableStringPtr(v *string) any {
	if v == nil {
		return nil
	}
	if *v == "" {
		return nil
	}
	return *v
}

func nullableIntPtr(v *int) any {
	if v == nil {
		return nil
	}
	return *v
}

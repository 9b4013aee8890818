package repo

import (
	"context"
	"database/sql"

	"repairline/internal/domain"
)

func scanHistoryRows(rows *sql.Rows) ([]domain.StatusHistory, error) {
	defer rows.Close()
	var res []domain.StatusHistory
	for rows.Next() {
		var h domain.StatusHistory
		var notes sql.NullString
		if err := rows.Scan(&h.ID, &h.HealthCheckID, &h.FromStatus, &h.ToStatus, &h.ChangedBy, &h.ChangeSource, &notes, &h.CreatedAt); err != nil {
			return nil, err
		}
		h.Notes = notes.String
		res = append(res, h)
	}
	return res, rows.Err()
}

// ListHistory returns the audit trail of one health check, oldest first.
func (r Repo) ListHistory(ctx context.Context, tx *sql.Tx, healthCheckID string) ([]domain.StatusHistory, error) {
	rows, err := r.q(tx).QueryContext(ctx, `SELECT id,health_check_id,from_status,to_status,changed_by,change_source,notes,created_at
FROM status_history WHERE health_check_id=? ORDER BY id`, healthCheckID)
	if err != nil {
		return nil, err
	}
	return scanHistoryRows(rows)
}

// HistoryAfter returns up to limit rows with id greater than cursor across all
// health checks, with the owning organization.
func (r Repo) HistoryAfter(ctx context.Context, limit int, cursor int64) ([]HistoryEntry, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := r.DB.QueryContext(ctx, `SELECT h.id,h.health_check_id,h.from_status,h.to_status,h.changed_by,h.change_source,h.notes,h.created_at,c.organization_id
FROM status_history h JOIN health_checks c ON c.id=h.health_check_id WHERE h.id>? ORDER BY h.id LIMIT ?`, cursor, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []HistoryEntry
	for rows.Next() {
		var e HistoryEntry
		var notes sql.NullString
		if err := rows.Scan(&e.ID, &e.HealthCheckID, &e.FromStatus, &e.ToStatus, &e.ChangedBy, &e.ChangeSource, &notes, &e.CreatedAt, &e.OrganizationID); err != nil {
			return nil, err
		}
		e.Notes = notes.String
		res = append(res, e)
	}
	return res, rows.Err()
}

// HistoryEntry is a StatusHistory row joined with its organization.
type HistoryEntry struct {
	domain.StatusHistory
	OrganizationID string `json:"organization_id"`
}

// LatestHistoryID returns the highest status_history id, or 0.
func (r Repo) LatestHistoryID(ctx context.Context) (int64, error) {
	var id sql.NullInt64
	if err := r.DB.QueryRowContext(ctx, `SELECT MAX(id) FROM status_history`).Scan(&id); err != nil {
		return 0, err
	}
	return id.Int64, nil
}

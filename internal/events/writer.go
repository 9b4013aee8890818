package events

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"repairline/internal/domain"
)

// Writer appends StatusHistory rows. Rows are never updated.
type Writer struct {
	Now func() time.Time
}

// Append writes one audit row inside tx and returns its id.
func (w Writer) Append(ctx context.Context, tx *sql.Tx, h domain.StatusHistory) (int64, error) {
	if w.Now == nil {
		w.Now = time.Now
	}
	if h.HealthCheckID == "" {
		return 0, fmt.Errorf("status history: health check id is required")
	}
	if h.ChangedBy == "" {
		return 0, fmt.Errorf("status history: changed_by is required")
	}
	if !h.ChangeSource.Valid() {
		return 0, fmt.Errorf("status history: invalid change source %q", h.ChangeSource)
	}
	if h.CreatedAt == "" {
		h.CreatedAt = w.Now().UTC().Format(time.RFC3339)
	}
	res, err := tx.ExecContext(ctx, `INSERT INTO status_history(health_check_id,from_status,to_status,changed_by,change_source,notes,created_at) VALUES (?,?,?,?,?,?,?)`,
		h.HealthCheckID, h.FromStatus, h.ToStatus, h.ChangedBy, h.ChangeSource, nullable(h.Notes), h.CreatedAt)
	if err != nil {
		return 0, fmt.Errorf("append status history: %w", err)
	}
	return res.LastInsertId()
}

func nullable(v string) any {
	if v == "" {
		return nil
	}
	return v
}

package repo

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"repairline/internal/domain"
)

// DBTX is satisfied by *sql.DB and *sql.Tx.
type DBTX interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

type Repo struct {
	DB *sql.DB
}

var ErrNotFound = errors.New("not found")

// q returns tx when set so reads inside a mutation see its writes.
func (r Repo) q(tx *sql.Tx) DBTX {
	if tx != nil {
		return tx
	}
	return r.DB
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

func strPtr(ns sql.NullString) *string {
	if !ns.Valid {
		return nil
	}
	s := ns.String
	return &s
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

func affectedOrNotFound(res sql.Result, err error) error {
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

const healthCheckColumns = `id,organization_id,site_id,vehicle_reg,status,arrived_at,tech_started_at,tech_completed_at,advisor_reviewed_at,sent_at,
red_count,amber_count,green_count,total_identified,total_authorized,total_declined,total_deferred,access_token,access_expires_at,created_at,updated_at`

type scanner interface {
	Scan(dest ...any) error
}

func scanHealthCheck(s scanner) (domain.HealthCheck, error) {
	var hc domain.HealthCheck
	var site, reg, arrived, techStarted, techCompleted, reviewed, sent, token, expires sql.NullString
	err := s.Scan(&hc.ID, &hc.OrganizationID, &site, &reg, &hc.Status, &arrived, &techStarted, &techCompleted, &reviewed, &sent,
		&hc.RedCount, &hc.AmberCount, &hc.GreenCount, &hc.TotalIdentified, &hc.TotalAuthorized, &hc.TotalDeclined, &hc.TotalDeferred,
		&token, &expires, &hc.CreatedAt, &hc.UpdatedAt)
	if err == sql.ErrNoRows {
		return hc, ErrNotFound
	}
	if err != nil {
		return hc, err
	}
	hc.SiteID = site.String
	hc.VehicleReg = reg.String
	hc.ArrivedAt = strPtr(arrived)
	hc.TechStartedAt = strPtr(techStarted)
	hc.TechCompletedAt = strPtr(techCompleted)
	hc.AdvisorReviewedAt = strPtr(reviewed)
	hc.SentAt = strPtr(sent)
	hc.AccessToken = token.String
	hc.AccessExpiresAt = strPtr(expires)
	return hc, nil
}

func (r Repo) InsertHealthCheck(ctx context.Context, tx *sql.Tx, hc domain.HealthCheck) error {
	_, err := tx.ExecContext(ctx, `INSERT INTO health_checks(id,organization_id,site_id,vehicle_reg,status,access_token,access_expires_at,created_at,updated_at)
VALUES (?,?,?,?,?,?,?,?,?)`,
		hc.ID, hc.OrganizationID, nullable(hc.SiteID), nullable(hc.VehicleReg), hc.Status, nullable(hc.AccessToken),
		nullableStringPtr(hc.AccessExpiresAt), hc.CreatedAt, hc.UpdatedAt)
	return err
}

// GetHealthCheck loads a health check owned by orgID.
func (r Repo) GetHealthCheck(ctx context.Context, tx *sql.Tx, id, orgID string) (domain.HealthCheck, error) {
	return scanHealthCheck(r.q(tx).QueryRowContext(ctx, `SELECT `+healthCheckColumns+` FROM health_checks WHERE id=? AND organization_id=?`, id, orgID))
}

// GetHealthCheckByToken resolves a customer portal access token.
func (r Repo) GetHealthCheckByToken(ctx context.Context, tx *sql.Tx, token string) (domain.HealthCheck, error) {
	if token == "" {
		return domain.HealthCheck{}, ErrNotFound
	}
	return scanHealthCheck(r.q(tx).QueryRowContext(ctx, `SELECT `+healthCheckColumns+` FROM health_checks WHERE access_token=?`, token))
}

type HealthCheckFilters struct {
	OrganizationID string
	Status         domain.Status
	Limit          int
}

func (r Repo) ListHealthChecks(ctx context.Context, f HealthCheckFilters) ([]domain.HealthCheck, error) {
	var (
		where []string
		args  []any
	)
	where = append(where, "organization_id=?")
	args = append(args, f.OrganizationID)
	if f.Status != "" {
		where = append(where, "status=?")
		args = append(args, f.Status)
	}
	query := fmt.Sprintf(`SELECT %s FROM health_checks WHERE %s ORDER BY created_at DESC, id`, healthCheckColumns, strings.Join(where, " AND "))
	if f.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, f.Limit)
	}
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.HealthCheck
	for rows.Next() {
		hc, err := scanHealthCheck(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, hc)
	}
	return res, rows.Err()
}

// Stamp names a lifecycle timestamp column on health_checks.
type Stamp string

const (
	StampArrived         Stamp = "arrived_at"
	StampTechStarted     Stamp = "tech_started_at"
	StampTechCompleted   Stamp = "tech_completed_at"
	StampAdvisorReviewed Stamp = "advisor_reviewed_at"
	StampSent            Stamp = "sent_at"
)

// UpdateStatus writes status and, when stamp is set, fills that timestamp
// column if it is still empty.
func (r Repo) UpdateStatus(ctx context.Context, tx *sql.Tx, id string, status domain.Status, stamp Stamp, now string) error {
	switch stamp {
	case "":
		return affectedOrNotFound(tx.ExecContext(ctx, `UPDATE health_checks SET status=?, updated_at=? WHERE id=?`, status, now, id))
	case StampArrived, StampTechStarted, StampTechCompleted, StampAdvisorReviewed, StampSent:
		col := string(stamp)
		return affectedOrNotFound(tx.ExecContext(ctx,
			fmt.Sprintf(`UPDATE health_checks SET status=?, %s=COALESCE(%s,?), updated_at=? WHERE id=?`, col, col), status, now, now, id))
	default:
		return fmt.Errorf("unknown timestamp column %q", stamp)
	}
}

// UpdateRollup persists the derived RAG counts and money totals.
func (r Repo) UpdateRollup(ctx context.Context, tx *sql.Tx, hc domain.HealthCheck) error {
	return affectedOrNotFound(tx.ExecContext(ctx, `UPDATE health_checks SET red_count=?, amber_count=?, green_count=?,
total_identified=?, total_authorized=?, total_declined=?, total_deferred=?, updated_at=? WHERE id=?`,
		hc.RedCount, hc.AmberCount, hc.GreenCount, hc.TotalIdentified, hc.TotalAuthorized, hc.TotalDeclined, hc.TotalDeferred, hc.UpdatedAt, hc.ID))
}

// SetAccessToken replaces the portal token and its expiry.
func (r Repo) SetAccessToken(ctx context.Context, tx *sql.Tx, id, token, expiresAt, now string) error {
	return affectedOrNotFound(tx.ExecContext(ctx, `UPDATE health_checks SET access_token=?, access_expires_at=?, updated_at=? WHERE id=?`,
		token, expiresAt, now, id))
}

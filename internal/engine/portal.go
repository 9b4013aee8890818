package engine

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"repairline/internal/domain"
	"repairline/internal/workflow"
)

// PortalActor is the principal behind customer portal requests.
var PortalActor = domain.Actor{ID: "customer", Source: domain.SourceCustomerPortal}

// portalDecideFrom lists the statuses in which the customer may respond.
var portalDecideFrom = []domain.Status{
	domain.StatusSent,
	domain.StatusDelivered,
	domain.StatusOpened,
	domain.StatusPartialResponse,
}

// expireFrom lists the statuses an elapsed link moves to expired from.
var expireFrom = []domain.Status{
	domain.StatusSent,
	domain.StatusDelivered,
	domain.StatusOpened,
	domain.StatusPartialResponse,
}

// issueLink sets a fresh expiry on the portal link, minting a new token when
// rotate is set or none exists.
func (e Engine) issueLink(ctx context.Context, tx *sql.Tx, hc domain.HealthCheck, rotate bool) (string, error) {
	token := hc.AccessToken
	if rotate || token == "" {
		token = uuid.NewString()
	}
	expires := e.now().Add(e.cfg().LinkTTL()).UTC().Format(time.RFC3339)
	if err := e.Repo.SetAccessToken(ctx, tx, hc.ID, token, expires, e.stamp()); err != nil {
		return "", fmt.Errorf("issue access link: %w", err)
	}
	return token, nil
}

// RotateAccessLink replaces the portal token of a health check and returns
// the new one.
func (e Engine) RotateAccessLink(ctx context.Context, scope Scope) (string, error) {
	var token string
	err := e.inTx(ctx, scope, func(tx *sql.Tx, agg domain.Aggregate) error {
		if workflow.IsTerminal(agg.HealthCheck.Status) {
			return InvalidStatusError{Op: "rotate access link", Status: agg.HealthCheck.Status}
		}
		var err error
		token, err = e.issueLink(ctx, tx, agg.HealthCheck, true)
		return err
	})
	return token, err
}

func (e Engine) linkExpired(hc domain.HealthCheck) bool {
	if hc.Status == domain.StatusExpired {
		return true
	}
	if hc.AccessExpiresAt == nil {
		return false
	}
	exp, err := time.Parse(time.RFC3339, *hc.AccessExpiresAt)
	if err != nil {
		return true
	}
	return !e.now().Before(exp)
}

// inPortalTx resolves token and runs fn on its aggregate in one transaction.
// An elapsed link moves the check to expired, commits, and yields
// ErrLinkExpired.
func (e Engine) inPortalTx(ctx context.Context, token string, fn func(tx *sql.Tx, agg domain.Aggregate) error) error {
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	agg, err := e.Repo.LoadAggregateByToken(ctx, tx, token)
	if err != nil {
		return notFound(err, "portal link", "")
	}
	if e.linkExpired(agg.HealthCheck) {
		hc := agg.HealthCheck
		if workflow.StatusIn(hc.Status, expireFrom) && workflow.IsValidTransition(hc.Status, domain.StatusExpired) {
			if err := e.commitTransition(ctx, tx, hc, domain.StatusExpired, "", SystemActor, "portal link expired"); err != nil {
				return err
			}
			if err := tx.Commit(); err != nil {
				return err
			}
		}
		return ErrLinkExpired
	}
	if err := fn(tx, agg); err != nil {
		return err
	}
	return tx.Commit()
}

// advanceView walks sent -> delivered -> opened where the graph allows it and
// returns the reloaded aggregate.
func (e Engine) advanceView(ctx context.Context, tx *sql.Tx, agg domain.Aggregate) (domain.Aggregate, error) {
	hc := agg.HealthCheck
	moved := false
	for _, to := range []domain.Status{domain.StatusDelivered, domain.StatusOpened} {
		if !workflow.IsValidTransition(hc.Status, to) {
			continue
		}
		if err := e.commitTransition(ctx, tx, hc, to, "", PortalActor, "portal viewed"); err != nil {
			return agg, err
		}
		hc.Status = to
		moved = true
	}
	if !moved {
		return agg, nil
	}
	return e.reload(ctx, tx, hc)
}

// RecordPortalView marks the check delivered and opened for a customer
// visit and returns what the customer sees.
func (e Engine) RecordPortalView(ctx context.Context, token string) (Summary, error) {
	var out Summary
	err := e.inPortalTx(ctx, token, func(tx *sql.Tx, agg domain.Aggregate) error {
		agg, err := e.advanceView(ctx, tx, agg)
		if err != nil {
			return err
		}
		out = Summary{Aggregate: customerView(agg), Result: e.aggregator().Aggregate(agg.Items, agg.Results)}
		return nil
	})
	return out, err
}

func (e Engine) portalDecide(ctx context.Context, token string, autoSelect bool, build func(agg domain.Aggregate) []Decision) (RecomputeResult, error) {
	var out RecomputeResult
	err := e.inPortalTx(ctx, token, func(tx *sql.Tx, agg domain.Aggregate) error {
		agg, err := e.advanceView(ctx, tx, agg)
		if err != nil {
			return err
		}
		if st := agg.HealthCheck.Status; !workflow.StatusIn(st, portalDecideFrom) {
			return InvalidStatusError{Op: "customer response", Status: st, Allowed: portalDecideFrom}
		}
		out, err = e.applyDecisions(ctx, tx, agg, build(agg), PortalActor, autoSelect)
		return err
	})
	return out, err
}

// PortalDecide records one customer decision through the portal link.
func (e Engine) PortalDecide(ctx context.Context, token string, d Decision) (RecomputeResult, error) {
	return e.portalDecide(ctx, token, false, func(domain.Aggregate) []Decision { return []Decision{d} })
}

// PortalDecideAll is the portal's approve-all or decline-all action over
// every pending item.
func (e Engine) PortalDecideAll(ctx context.Context, token string, outcome domain.Outcome) (RecomputeResult, error) {
	if !outcome.Decided() || !outcome.Valid() {
		return RecomputeResult{}, ValidationError{Field: "decision", Message: fmt.Sprintf("invalid decision %q", outcome)}
	}
	return e.portalDecide(ctx, token, true, func(agg domain.Aggregate) []Decision {
		ids := pendingLeaves(agg)
		ds := make([]Decision, 0, len(ids))
		for _, id := range ids {
			ds = append(ds, Decision{ItemID: id, Outcome: outcome})
		}
		return ds
	})
}

// customerView drops soft-deleted items and children.
func customerView(agg domain.Aggregate) domain.Aggregate {
	items := make([]domain.RepairItem, 0, len(agg.Items))
	for _, it := range agg.Items {
		if it.Deleted() {
			continue
		}
		it.Children = it.LiveChildren()
		items = append(items, it)
	}
	agg.Items = items
	return agg
}

// IsLinkExpired reports whether err came from an elapsed portal link.
func IsLinkExpired(err error) bool {
	return errors.Is(err, ErrLinkExpired)
}

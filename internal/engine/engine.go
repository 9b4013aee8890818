package engine

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"go.uber.org/zap"

	"repairline/internal/config"
	"repairline/internal/domain"
	"repairline/internal/events"
	"repairline/internal/repo"
	"repairline/internal/workflow"
)

// TransitionPolicy decides what recompute does when the implied status is not
// reachable from the current one.
type TransitionPolicy int

const (
	// SilentTransitionSkip keeps the current status and commits the rest of
	// the update.
	SilentTransitionSkip TransitionPolicy = iota
	// StrictTransitions fails the whole operation with InvalidStatusError.
	StrictTransitions
)

type Engine struct {
	DB     *sql.DB
	Repo   repo.Repo
	Events events.Writer
	Config *config.Config
	Logger *zap.Logger
	Policy TransitionPolicy
	Now    func() time.Time
}

func New(db *sql.DB, cfg *config.Config, logger *zap.Logger) Engine {
	if cfg == nil {
		cfg = config.Default()
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return Engine{
		DB:     db,
		Repo:   repo.Repo{DB: db},
		Events: events.Writer{Now: time.Now},
		Config: cfg,
		Logger: logger,
		Policy: SilentTransitionSkip,
		Now:    time.Now,
	}
}

func (e Engine) now() time.Time {
	if e.Now != nil {
		return e.Now()
	}
	return time.Now()
}

func (e Engine) stamp() string {
	return e.now().UTC().Format(time.RFC3339)
}

func (e Engine) log() *zap.Logger {
	if e.Logger != nil {
		return e.Logger
	}
	return zap.NewNop()
}

func (e Engine) cfg() *config.Config {
	if e.Config != nil {
		return e.Config
	}
	return config.Default()
}

func (e Engine) aggregator() workflow.Aggregator {
	return workflow.NewAggregator(e.cfg().VATRate())
}

// SystemActor is used for engine-initiated changes.
var SystemActor = domain.Actor{ID: "system", Source: domain.SourceSystem}

// Scope addresses one health check within an organization.
type Scope struct {
	HealthCheckID  string
	OrganizationID string
}

func (s Scope) validate() error {
	if s.HealthCheckID == "" {
		return ValidationError{Field: "health_check_id", Message: "is required"}
	}
	if s.OrganizationID == "" {
		return ValidationError{Field: "organization_id", Message: "is required"}
	}
	return nil
}

func validateActor(a domain.Actor) error {
	if a.ID == "" {
		return ValidationError{Field: "actor", Message: "actor id is required"}
	}
	if !a.Source.Valid() {
		return ValidationError{Field: "actor", Message: fmt.Sprintf("unknown source %q", a.Source)}
	}
	return nil
}

// RecomputeResult reports the outcome of one aggregation pass. NewStatus is
// nil when the status did not change.
type RecomputeResult struct {
	PreviousStatus domain.Status   `json:"previous_status"`
	NewStatus      *domain.Status  `json:"new_status"`
	Summary        workflow.Result `json:"summary"`
}

// inTx runs fn in one transaction holding the database write lock for the
// health check aggregate. The aggregate is loaded through the transaction.
func (e Engine) inTx(ctx context.Context, scope Scope, fn func(tx *sql.Tx, agg domain.Aggregate) error) error {
	if err := scope.validate(); err != nil {
		return err
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	agg, err := e.Repo.LoadAggregate(ctx, tx, scope.HealthCheckID, scope.OrganizationID)
	if err != nil {
		return notFound(err, "health check", scope.HealthCheckID)
	}
	if err := fn(tx, agg); err != nil {
		return err
	}
	return tx.Commit()
}

// reload re-reads the aggregate inside tx after item writes.
func (e Engine) reload(ctx context.Context, tx *sql.Tx, hc domain.HealthCheck) (domain.Aggregate, error) {
	return e.Repo.LoadAggregate(ctx, tx, hc.ID, hc.OrganizationID)
}

// recompute aggregates agg, persists the rollup and, when the implied status
// is a valid move, commits it with one StatusHistory row.
func (e Engine) recompute(ctx context.Context, tx *sql.Tx, agg domain.Aggregate, actor domain.Actor, notes string) (RecomputeResult, error) {
	hc := agg.HealthCheck
	res := e.aggregator().Aggregate(agg.Items, agg.Results)
	out := RecomputeResult{PreviousStatus: hc.Status, Summary: res}

	totals := res.Totals.Rounded()
	hc.RedCount, hc.AmberCount, hc.GreenCount = res.RedCount, res.AmberCount, res.GreenCount
	hc.TotalIdentified = totals.Identified.Total
	hc.TotalAuthorized = totals.Authorized.Total
	hc.TotalDeclined = totals.Declined.Total
	hc.TotalDeferred = totals.Deferred.Total
	hc.UpdatedAt = e.stamp()
	if err := e.Repo.UpdateRollup(ctx, tx, hc); err != nil {
		return out, fmt.Errorf("update rollup: %w", err)
	}

	implied, ok := res.Implied()
	if !ok || implied == hc.Status {
		return out, nil
	}
	if !workflow.IsValidTransition(hc.Status, implied) {
		if e.Policy == StrictTransitions {
			return out, InvalidStatusError{Op: "transition to " + string(implied), Status: hc.Status, Allowed: workflow.NextStatuses(hc.Status)}
		}
		e.log().Debug("transition skipped",
			zap.String("health_check_id", hc.ID),
			zap.String("from", string(hc.Status)),
			zap.String("implied", string(implied)))
		return out, nil
	}
	if err := e.commitTransition(ctx, tx, hc, implied, "", actor, notes); err != nil {
		return out, err
	}
	out.NewStatus = &implied
	return out, nil
}

func (e Engine) commitTransition(ctx context.Context, tx *sql.Tx, hc domain.HealthCheck, to domain.Status, stamp repo.Stamp, actor domain.Actor, notes string) error {
	now := e.stamp()
	if err := e.Repo.UpdateStatus(ctx, tx, hc.ID, to, stamp, now); err != nil {
		return fmt.Errorf("update status: %w", err)
	}
	if _, err := e.Events.Append(ctx, tx, domain.StatusHistory{
		HealthCheckID: hc.ID,
		FromStatus:    hc.Status,
		ToStatus:      to,
		ChangedBy:     actor.ID,
		ChangeSource:  actor.Source,
		Notes:         notes,
		CreatedAt:     now,
	}); err != nil {
		return err
	}
	e.log().Info("health check transitioned",
		zap.String("health_check_id", hc.ID),
		zap.String("from", string(hc.Status)),
		zap.String("to", string(to)),
		zap.String("actor", actor.ID),
		zap.String("source", string(actor.Source)))
	return nil
}

// RecomputeAndMaybeTransition re-runs aggregation for a health check and
// commits the implied status when the transition graph allows it.
func (e Engine) RecomputeAndMaybeTransition(ctx context.Context, scope Scope, actor domain.Actor) (RecomputeResult, error) {
	if err := validateActor(actor); err != nil {
		return RecomputeResult{}, err
	}
	var out RecomputeResult
	err := e.inTx(ctx, scope, func(tx *sql.Tx, agg domain.Aggregate) error {
		var err error
		out, err = e.recompute(ctx, tx, agg, actor, "")
		return err
	})
	return out, err
}

// derivedStatuses are only ever reached through recompute.
var derivedStatuses = []domain.Status{domain.StatusPartialResponse, domain.StatusAuthorized, domain.StatusDeclined}

// stampFor picks the lifecycle timestamp a staff move records.
func stampFor(from, to domain.Status) repo.Stamp {
	switch {
	case from == domain.StatusAwaitingArrival && (to == domain.StatusCreated || to == domain.StatusAwaitingCheckin):
		return repo.StampArrived
	case to == domain.StatusInProgress:
		return repo.StampTechStarted
	case to == domain.StatusTechCompleted:
		return repo.StampTechCompleted
	case from == domain.StatusAwaitingReview:
		return repo.StampAdvisorReviewed
	case to == domain.StatusSent:
		return repo.StampSent
	}
	return ""
}

// Transition applies an explicit staff move. Unlike recompute it fails with
// InvalidStatusError when the graph has no such edge.
func (e Engine) Transition(ctx context.Context, scope Scope, to domain.Status, actor domain.Actor, notes string) (domain.HealthCheck, error) {
	if err := validateActor(actor); err != nil {
		return domain.HealthCheck{}, err
	}
	if !workflow.KnownStatus(to) {
		return domain.HealthCheck{}, ValidationError{Field: "status", Message: fmt.Sprintf("unknown status %q", to)}
	}
	if workflow.StatusIn(to, derivedStatuses) {
		return domain.HealthCheck{}, ValidationError{Field: "status", Message: fmt.Sprintf("%s is derived from repair decisions", to)}
	}
	var hc domain.HealthCheck
	err := e.inTx(ctx, scope, func(tx *sql.Tx, agg domain.Aggregate) error {
		hc = agg.HealthCheck
		if !workflow.IsValidTransition(hc.Status, to) {
			return InvalidStatusError{Op: "transition to " + string(to), Status: hc.Status, Allowed: workflow.NextStatuses(hc.Status)}
		}
		if err := e.commitTransition(ctx, tx, hc, to, stampFor(hc.Status, to), actor, notes); err != nil {
			return err
		}
		if to == domain.StatusSent {
			// The portal link validity window starts when the check is sent.
			if _, err := e.issueLink(ctx, tx, hc, false); err != nil {
				return err
			}
		}
		var err error
		hc, err = e.Repo.GetHealthCheck(ctx, tx, hc.ID, hc.OrganizationID)
		return err
	})
	return hc, err
}

// MarkArrived moves an awaiting_arrival check to check-in or straight to
// created, depending on the organization's intake settings.
func (e Engine) MarkArrived(ctx context.Context, scope Scope, actor domain.Actor) (domain.HealthCheck, error) {
	return e.Transition(ctx, scope, workflow.ArrivalTarget(e.cfg().Intake.CheckinEnabled), actor, "vehicle arrived")
}

// Summary is the read-side view of a health check.
type Summary struct {
	Aggregate domain.Aggregate `json:"aggregate"`
	Result    workflow.Result  `json:"result"`
}

// Summary loads a health check and computes its totals without writing.
func (e Engine) Summary(ctx context.Context, scope Scope) (Summary, error) {
	if err := scope.validate(); err != nil {
		return Summary{}, err
	}
	agg, err := e.Repo.LoadAggregate(ctx, nil, scope.HealthCheckID, scope.OrganizationID)
	if err != nil {
		return Summary{}, notFound(err, "health check", scope.HealthCheckID)
	}
	return Summary{Aggregate: agg, Result: e.aggregator().Aggregate(agg.Items, agg.Results)}, nil
}

// History returns the audit trail of a health check.
func (e Engine) History(ctx context.Context, scope Scope) ([]domain.StatusHistory, error) {
	if err := scope.validate(); err != nil {
		return nil, err
	}
	if _, err := e.Repo.GetHealthCheck(ctx, nil, scope.HealthCheckID, scope.OrganizationID); err != nil {
		return nil, notFound(err, "health check", scope.HealthCheckID)
	}
	return e.Repo.ListHistory(ctx, nil, scope.HealthCheckID)
}

// List returns the health checks of an organization, newest first.
func (e Engine) List(ctx context.Context, orgID string, status domain.Status, limit int) ([]domain.HealthCheck, error) {
	if orgID == "" {
		return nil, ValidationError{Field: "organization_id", Message: "is required"}
	}
	if status != "" && !workflow.KnownStatus(status) {
		return nil, ValidationError{Field: "status", Message: fmt.Sprintf("unknown status %q", status)}
	}
	return e.Repo.ListHealthChecks(ctx, repo.HealthCheckFilters{OrganizationID: orgID, Status: status, Limit: limit})
}

package engine

import (
	"context"
	"database/sql"
	"fmt"

	"go.uber.org/zap"

	"repairline/internal/domain"
	"repairline/internal/workflow"
)

// Decision is one outcome recorded against a repair item.
type Decision struct {
	ItemID           string         `json:"item_id" yaml:"item_id"`
	Outcome          domain.Outcome `json:"outcome" yaml:"outcome"`
	SelectedOptionID string         `json:"selected_option_id,omitempty" yaml:"selected_option_id"`
	Reason           string         `json:"reason,omitempty" yaml:"reason"`
	Notes            string         `json:"notes,omitempty" yaml:"notes"`
}

const selectOptionMessage = "please select an option before approving"

// resolveDecision validates d against the loaded aggregate and returns the
// item with its decision fields overwritten. changed is false when the stored
// decision already matches.
func (e Engine) resolveDecision(agg domain.Aggregate, d Decision, actor domain.Actor, autoSelect bool) (domain.RepairItem, bool, error) {
	if !d.Outcome.Valid() {
		return domain.RepairItem{}, false, ValidationError{Field: "decision", Message: fmt.Sprintf("invalid decision %q", d.Outcome)}
	}
	item, ok := agg.FindItem(d.ItemID)
	if !ok || item.Deleted() {
		return domain.RepairItem{}, false, NotFoundError{Kind: "repair item", ID: d.ItemID}
	}
	if item.IsGroup {
		return domain.RepairItem{}, false, ValidationError{Field: "item_id", Message: "a group's decision is derived from its children"}
	}

	var selected *string
	switch {
	case d.Outcome != domain.OutcomeAuthorised:
		// non-authorised decisions carry no option
	case len(item.Options) == 0:
		if d.SelectedOptionID != "" {
			return domain.RepairItem{}, false, ValidationError{Field: "selected_option_id", Message: "item has no options"}
		}
	case d.SelectedOptionID != "":
		if _, ok := item.Option(d.SelectedOptionID); !ok {
			return domain.RepairItem{}, false, ValidationError{Field: "selected_option_id", Message: fmt.Sprintf("option %s does not belong to item %s", d.SelectedOptionID, item.ID)}
		}
		id := d.SelectedOptionID
		selected = &id
	case autoSelect:
		if item.SelectedOptionID != nil {
			if _, ok := item.Option(*item.SelectedOptionID); ok {
				id := *item.SelectedOptionID
				selected = &id
				break
			}
		}
		opt, _ := workflow.DefaultOption(item.Options)
		selected = &opt.ID
	default:
		return domain.RepairItem{}, false, ValidationError{Field: "selected_option_id", Message: selectOptionMessage}
	}

	next := item
	next.OutcomeStatus = d.Outcome
	next.SelectedOptionID = selected
	next.DecisionReason = optional(d.Reason)
	next.DecisionNotes = optional(d.Notes)
	if d.Outcome == domain.OutcomePending {
		next.DecisionSource, next.DecidedBy, next.DecidedAt = nil, nil, nil
	} else {
		src := actor.Source
		by := actor.ID
		now := e.stamp()
		next.DecisionSource, next.DecidedBy, next.DecidedAt = &src, &by, &now
	}
	if sameDecision(item, next) {
		return item, false, nil
	}
	next.UpdatedAt = e.stamp()
	return next, true, nil
}

func sameDecision(a, b domain.RepairItem) bool {
	return a.OutcomeStatus == b.OutcomeStatus &&
		eqStr(a.SelectedOptionID, b.SelectedOptionID) &&
		eqStr(a.DecisionReason, b.DecisionReason) &&
		eqStr(a.DecisionNotes, b.DecisionNotes) &&
		eqStr(a.DecidedBy, b.DecidedBy) &&
		eqSource(a.DecisionSource, b.DecisionSource)
}

func eqStr(a, b *string) bool {
	if a == nil || b == nil {
		return a == nil && b == nil
	}
	return *a == *b
}

func eqSource(a, b *domain.Source) bool {
	if a == nil || b == nil {
		return a == nil && b == nil
	}
	return *a == *b
}

func optional(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

// applyDecisions writes every decision and recomputes once. All decisions are
// validated before the first write.
func (e Engine) applyDecisions(ctx context.Context, tx *sql.Tx, agg domain.Aggregate, ds []Decision, actor domain.Actor, autoSelect bool) (RecomputeResult, error) {
	seen := map[string]bool{}
	var writes []domain.RepairItem
	for _, d := range ds {
		if d.ItemID == "" {
			return RecomputeResult{}, ValidationError{Field: "item_id", Message: "is required"}
		}
		if seen[d.ItemID] {
			return RecomputeResult{}, ValidationError{Field: "item_id", Message: fmt.Sprintf("item %s listed more than once", d.ItemID)}
		}
		seen[d.ItemID] = true
		next, changed, err := e.resolveDecision(agg, d, actor, autoSelect)
		if err != nil {
			return RecomputeResult{}, err
		}
		if changed {
			writes = append(writes, next)
		}
	}
	for _, it := range writes {
		if err := e.Repo.UpdateDecision(ctx, tx, it); err != nil {
			return RecomputeResult{}, fmt.Errorf("update decision %s: %w", it.ID, err)
		}
	}
	if len(writes) > 0 {
		var err error
		if agg, err = e.reload(ctx, tx, agg.HealthCheck); err != nil {
			return RecomputeResult{}, err
		}
	}
	return e.recompute(ctx, tx, agg, actor, "")
}

// ApplyDecision records one decision and recomputes the health check in the
// same transaction. Re-applying an identical decision writes nothing.
func (e Engine) ApplyDecision(ctx context.Context, scope Scope, d Decision, actor domain.Actor) (RecomputeResult, error) {
	if err := validateActor(actor); err != nil {
		return RecomputeResult{}, err
	}
	var out RecomputeResult
	err := e.inTx(ctx, scope, func(tx *sql.Tx, agg domain.Aggregate) error {
		var err error
		out, err = e.applyDecisions(ctx, tx, agg, []Decision{d}, actor, false)
		return err
	})
	return out, err
}

// ApplyBulkDecision applies one outcome to every listed item as a single
// transaction. Items with options and no selection get their default option.
func (e Engine) ApplyBulkDecision(ctx context.Context, scope Scope, itemIDs []string, outcome domain.Outcome, actor domain.Actor, reason string) (RecomputeResult, error) {
	if err := validateActor(actor); err != nil {
		return RecomputeResult{}, err
	}
	if len(itemIDs) == 0 {
		return RecomputeResult{}, ValidationError{Field: "items", Message: "at least one item is required"}
	}
	ds := make([]Decision, 0, len(itemIDs))
	for _, id := range itemIDs {
		ds = append(ds, Decision{ItemID: id, Outcome: outcome, Reason: reason})
	}
	var out RecomputeResult
	err := e.inTx(ctx, scope, func(tx *sql.Tx, agg domain.Aggregate) error {
		var err error
		out, err = e.applyDecisions(ctx, tx, agg, ds, actor, true)
		return err
	})
	if err == nil {
		e.log().Info("bulk decision applied",
			zap.String("health_check_id", scope.HealthCheckID),
			zap.String("outcome", string(outcome)),
			zap.Int("items", len(itemIDs)))
	}
	return out, err
}

// pendingLeaves lists every live, undecided, decidable item: top-level leaves
// and the live children of groups.
func pendingLeaves(agg domain.Aggregate) []string {
	var ids []string
	for _, it := range agg.Items {
		if it.Deleted() {
			continue
		}
		if it.IsGroup {
			for _, c := range it.LiveChildren() {
				if !c.OutcomeStatus.Decided() {
					ids = append(ids, c.ID)
				}
			}
			continue
		}
		if !it.OutcomeStatus.Decided() {
			ids = append(ids, it.ID)
		}
	}
	return ids
}

// DecideAllPending applies outcome to every item still pending.
func (e Engine) DecideAllPending(ctx context.Context, scope Scope, outcome domain.Outcome, actor domain.Actor) (RecomputeResult, error) {
	if err := validateActor(actor); err != nil {
		return RecomputeResult{}, err
	}
	if !outcome.Decided() || !outcome.Valid() {
		return RecomputeResult{}, ValidationError{Field: "decision", Message: fmt.Sprintf("invalid decision %q", outcome)}
	}
	var out RecomputeResult
	err := e.inTx(ctx, scope, func(tx *sql.Tx, agg domain.Aggregate) error {
		ids := pendingLeaves(agg)
		ds := make([]Decision, 0, len(ids))
		for _, id := range ids {
			ds = append(ds, Decision{ItemID: id, Outcome: outcome})
		}
		var err error
		out, err = e.applyDecisions(ctx, tx, agg, ds, actor, true)
		return err
	})
	return out, err
}

// RecordAdvisorAuthorization records decisions a customer gave in person.
func (e Engine) RecordAdvisorAuthorization(ctx context.Context, scope Scope, ds []Decision, actor domain.Actor) (RecomputeResult, error) {
	if err := validateActor(actor); err != nil {
		return RecomputeResult{}, err
	}
	if len(ds) == 0 {
		return RecomputeResult{}, ValidationError{Field: "decisions", Message: "at least one decision is required"}
	}
	var out RecomputeResult
	err := e.inTx(ctx, scope, func(tx *sql.Tx, agg domain.Aggregate) error {
		if st := agg.HealthCheck.Status; !workflow.StatusIn(st, workflow.AdvisorAuthorizeFrom) {
			return InvalidStatusError{Op: "advisor authorization", Status: st, Allowed: workflow.AdvisorAuthorizeFrom}
		}
		var err error
		out, err = e.applyDecisions(ctx, tx, agg, ds, actor, false)
		return err
	})
	return out, err
}

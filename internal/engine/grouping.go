package engine

import (
	"context"
	"database/sql"
	"fmt"
	"strings"

	"github.com/google/uuid"

	"repairline/internal/domain"
	"repairline/internal/workflow"
)

// standardOptionName names the option that carries pricing moved off
// regrouped members.
const standardOptionName = "Standard"

func findTopGroup(agg domain.Aggregate, groupID string) (domain.RepairItem, error) {
	for _, it := range agg.Items {
		if it.ID != groupID {
			continue
		}
		if it.Deleted() {
			break
		}
		if !it.IsGroup {
			return it, ValidationError{Field: "group_id", Message: fmt.Sprintf("item %s is not a group", groupID)}
		}
		return it, nil
	}
	if it, ok := agg.FindItem(groupID); ok && !it.Deleted() {
		return it, ValidationError{Field: "group_id", Message: fmt.Sprintf("item %s is not a group", groupID)}
	}
	return domain.RepairItem{}, NotFoundError{Kind: "repair group", ID: groupID}
}

// UngroupRepairGroup detaches every child of a group and removes the group's
// own finding links. Pricing moved onto the group when its members were
// grouped goes back to those members. A group still carrying pricing after
// that becomes a plain item decided the way its children decided it;
// otherwise it is soft-deleted.
func (e Engine) UngroupRepairGroup(ctx context.Context, scope Scope, groupID string, actor domain.Actor) (RecomputeResult, error) {
	if err := validateActor(actor); err != nil {
		return RecomputeResult{}, err
	}
	var out RecomputeResult
	err := e.inTx(ctx, scope, func(tx *sql.Tx, agg domain.Aggregate) error {
		group, err := findTopGroup(agg, groupID)
		if err != nil {
			return err
		}
		outcome, _ := workflow.GroupOutcome(group)
		now := e.stamp()
		if err := e.restoreMemberPricing(ctx, tx, group, now); err != nil {
			return err
		}
		for _, c := range group.Children {
			if err := e.Repo.SetParent(ctx, tx, c.ID, nil, now); err != nil {
				return fmt.Errorf("detach %s: %w", c.ID, err)
			}
		}
		if err := e.Repo.DeleteResultLinks(ctx, tx, group.ID); err != nil {
			return fmt.Errorf("unlink group findings: %w", err)
		}
		if agg, err = e.reload(ctx, tx, agg.HealthCheck); err != nil {
			return err
		}
		remaining, _ := agg.FindItem(group.ID)
		if workflow.CarriesPricing(remaining) {
			err = e.convertToLeaf(ctx, tx, remaining, outcome, actor, now)
		} else {
			err = e.Repo.SoftDeleteItem(ctx, tx, group.ID, now)
		}
		if err != nil {
			return fmt.Errorf("retire group: %w", err)
		}
		if agg, err = e.reload(ctx, tx, agg.HealthCheck); err != nil {
			return err
		}
		out, err = e.recompute(ctx, tx, agg, actor, "")
		return err
	})
	return out, err
}

// restoreMemberPricing hands each pricing line on the group's valuing option
// back to the member it came from. Lines of deleted members are dropped. The
// option goes away once nothing is left on it.
func (e Engine) restoreMemberPricing(ctx context.Context, tx *sql.Tx, group domain.RepairItem, now string) error {
	opt, ok := workflow.ValuingOption(group)
	if !ok || len(opt.Lines) == 0 {
		return nil
	}
	members := map[string]domain.RepairItem{}
	for _, c := range group.Children {
		members[c.ID] = c
	}
	pricer := e.aggregator()
	left := pricer.Priced(opt.Money)
	for _, l := range opt.Lines {
		m, ok := members[l.SourceItemID]
		if !ok {
			continue
		}
		if !m.Deleted() {
			if err := e.Repo.SetItemMoney(ctx, tx, m.ID, pricer.Priced(m.Money).Add(l.Money), now); err != nil {
				return fmt.Errorf("restore pricing on %s: %w", m.ID, err)
			}
		}
		if err := e.Repo.DeletePricingLine(ctx, tx, l.ID); err != nil {
			return fmt.Errorf("drop pricing line %s: %w", l.ID, err)
		}
		left = left.Sub(l.Money)
	}
	if left.TotalIncVAT.IsZero() {
		if err := e.Repo.DeleteRepairOption(ctx, tx, opt.ID); err != nil {
			return fmt.Errorf("drop %s option: %w", opt.Name, err)
		}
		return nil
	}
	if err := e.Repo.UpdateOptionMoney(ctx, tx, opt.ID, left); err != nil {
		return fmt.Errorf("update %s option: %w", opt.Name, err)
	}
	return nil
}

// convertToLeaf turns a priced group into a plain item carrying the outcome
// its children gave it.
func (e Engine) convertToLeaf(ctx context.Context, tx *sql.Tx, group domain.RepairItem, outcome domain.Outcome, actor domain.Actor, now string) error {
	if err := e.Repo.ConvertToLeaf(ctx, tx, group.ID, now); err != nil {
		return err
	}
	if !outcome.Decided() {
		return nil
	}
	leaf := group
	leaf.OutcomeStatus = outcome
	leaf.SelectedOptionID = nil
	if outcome == domain.OutcomeAuthorised {
		if opt, ok := workflow.ValuingOption(group); ok {
			id := opt.ID
			leaf.SelectedOptionID = &id
		}
	}
	src, by, at := actor.Source, actor.ID, now
	leaf.DecisionSource, leaf.DecidedBy, leaf.DecidedAt = &src, &by, &at
	leaf.DecisionReason, leaf.DecisionNotes = nil, nil
	leaf.UpdatedAt = now
	return e.Repo.UpdateDecision(ctx, tx, leaf)
}

// RegroupExistingItems re-parents standalone items under a group. Members'
// own pricing moves onto the group's Standard option as one pricing line per
// member and is cleared on the members so it is counted once.
func (e Engine) RegroupExistingItems(ctx context.Context, scope Scope, groupID string, memberIDs []string, actor domain.Actor) (RecomputeResult, error) {
	if err := validateActor(actor); err != nil {
		return RecomputeResult{}, err
	}
	var out RecomputeResult
	err := e.inTx(ctx, scope, func(tx *sql.Tx, agg domain.Aggregate) error {
		group, err := findTopGroup(agg, groupID)
		if err != nil {
			return err
		}
		if err := e.regroup(ctx, tx, agg, group, memberIDs); err != nil {
			return err
		}
		if agg, err = e.reload(ctx, tx, agg.HealthCheck); err != nil {
			return err
		}
		out, err = e.recompute(ctx, tx, agg, actor, "")
		return err
	})
	return out, err
}

func (e Engine) regroup(ctx context.Context, tx *sql.Tx, agg domain.Aggregate, group domain.RepairItem, memberIDs []string) error {
	if len(memberIDs) == 0 {
		return ValidationError{Field: "members", Message: "at least one member is required"}
	}
	seen := map[string]bool{}
	members := make([]domain.RepairItem, 0, len(memberIDs))
	for _, id := range memberIDs {
		if seen[id] {
			return ValidationError{Field: "members", Message: fmt.Sprintf("item %s listed more than once", id)}
		}
		seen[id] = true
		if id == group.ID {
			return ValidationError{Field: "members", Message: "a group cannot contain itself"}
		}
		m, ok := agg.FindItem(id)
		if !ok || m.Deleted() {
			return NotFoundError{Kind: "repair item", ID: id}
		}
		switch {
		case m.IsGroup:
			return ValidationError{Field: "members", Message: fmt.Sprintf("item %s is a group; groups do not nest", id)}
		case m.ParentRepairItemID != nil && *m.ParentRepairItemID != group.ID:
			return ValidationError{Field: "members", Message: fmt.Sprintf("item %s already belongs to group %s", id, *m.ParentRepairItemID)}
		case len(m.Options) > 0:
			return ValidationError{Field: "members", Message: fmt.Sprintf("item %s has its own options", id)}
		}
		members = append(members, m)
	}

	var movers []domain.RepairItem
	for _, m := range members {
		if !m.Money.IsZero() {
			movers = append(movers, m)
		}
	}
	var standard *domain.RepairOption
	for i := range group.Options {
		if strings.EqualFold(group.Options[i].Name, standardOptionName) {
			standard = &group.Options[i]
			continue
		}
		if len(movers) > 0 {
			return ValidationError{Field: "group_id", Message: fmt.Sprintf("group %s is priced by its own options", group.ID)}
		}
	}
	if len(movers) > 0 && !workflow.CarriesPricing(group) {
		// The group is about to be priced, so children already under it move
		// their pricing too.
		for _, c := range group.LiveChildren() {
			if seen[c.ID] {
				continue
			}
			if len(c.Options) > 0 {
				return ValidationError{Field: "group_id", Message: fmt.Sprintf("group item %s has its own options", c.ID)}
			}
			if !c.Money.IsZero() {
				movers = append(movers, c)
			}
		}
	}

	now := e.stamp()
	groupID := group.ID
	if len(movers) > 0 {
		pricer := e.aggregator()
		moved := domain.Money{}
		for _, m := range movers {
			moved = moved.Add(pricer.Priced(m.Money))
		}
		var optionID string
		if standard != nil {
			optionID = standard.ID
			if err := e.Repo.UpdateOptionMoney(ctx, tx, standard.ID, pricer.Priced(standard.Money).Add(moved)); err != nil {
				return fmt.Errorf("update standard option: %w", err)
			}
		} else {
			// Pricing the group carried itself stays on the option, owned by
			// no member.
			base := domain.Money{}
			if !group.Money.IsZero() {
				base = pricer.Priced(group.Money)
				if err := e.Repo.SetItemMoney(ctx, tx, group.ID, domain.Money{}, now); err != nil {
					return fmt.Errorf("clear pricing on group: %w", err)
				}
			}
			optionID = uuid.NewString()
			if err := e.Repo.InsertRepairOption(ctx, tx, domain.RepairOption{
				ID:           optionID,
				RepairItemID: group.ID,
				Name:         standardOptionName,
				Recommended:  true,
				Money:        base.Add(moved),
				CreatedAt:    now,
			}); err != nil {
				return fmt.Errorf("insert standard option: %w", err)
			}
		}
		for _, m := range movers {
			if err := e.Repo.InsertPricingLine(ctx, tx, domain.PricingLine{
				ID:             uuid.NewString(),
				RepairOptionID: optionID,
				SourceItemID:   m.ID,
				Money:          pricer.Priced(m.Money),
				CreatedAt:      now,
			}); err != nil {
				return fmt.Errorf("record pricing line for %s: %w", m.ID, err)
			}
			if err := e.Repo.SetItemMoney(ctx, tx, m.ID, domain.Money{}, now); err != nil {
				return fmt.Errorf("clear pricing on %s: %w", m.ID, err)
			}
		}
	}
	for _, m := range members {
		if err := e.Repo.SetParent(ctx, tx, m.ID, &groupID, now); err != nil {
			return fmt.Errorf("attach %s: %w", m.ID, err)
		}
	}
	return nil
}

// CreateGroup adds a new group item and regroups members under it.
func (e Engine) CreateGroup(ctx context.Context, scope Scope, name string, memberIDs []string, actor domain.Actor) (string, RecomputeResult, error) {
	if err := validateActor(actor); err != nil {
		return "", RecomputeResult{}, err
	}
	if strings.TrimSpace(name) == "" {
		return "", RecomputeResult{}, ValidationError{Field: "name", Message: "is required"}
	}
	groupID := uuid.NewString()
	var out RecomputeResult
	err := e.inTx(ctx, scope, func(tx *sql.Tx, agg domain.Aggregate) error {
		sortOrder := 0
		for i, id := range memberIDs {
			if m, ok := agg.FindItem(id); ok && (i == 0 || m.SortOrder < sortOrder) {
				sortOrder = m.SortOrder
			}
		}
		now := e.stamp()
		group := domain.RepairItem{
			ID:            groupID,
			HealthCheckID: agg.HealthCheck.ID,
			Name:          name,
			IsGroup:       true,
			OutcomeStatus: domain.OutcomePending,
			SortOrder:     sortOrder,
			CreatedAt:     now,
			UpdatedAt:     now,
		}
		if err := e.Repo.InsertRepairItem(ctx, tx, group); err != nil {
			return fmt.Errorf("insert group: %w", err)
		}
		if err := e.regroup(ctx, tx, agg, group, memberIDs); err != nil {
			return err
		}
		var err error
		if agg, err = e.reload(ctx, tx, agg.HealthCheck); err != nil {
			return err
		}
		out, err = e.recompute(ctx, tx, agg, actor, "")
		return err
	})
	if err != nil {
		return "", RecomputeResult{}, err
	}
	return groupID, out, nil
}

// DeleteRepairItem soft-deletes an item. Deleting a group also deletes its
// children. Items the customer already authorised cannot be deleted.
func (e Engine) DeleteRepairItem(ctx context.Context, scope Scope, itemID string, actor domain.Actor) (RecomputeResult, error) {
	if err := validateActor(actor); err != nil {
		return RecomputeResult{}, err
	}
	var out RecomputeResult
	err := e.inTx(ctx, scope, func(tx *sql.Tx, agg domain.Aggregate) error {
		item, ok := agg.FindItem(itemID)
		if !ok || item.Deleted() {
			return NotFoundError{Kind: "repair item", ID: itemID}
		}
		if item.OutcomeStatus == domain.OutcomeAuthorised && !item.IsGroup {
			return ValidationError{Field: "item_id", Message: "cannot delete an item the customer has authorised"}
		}
		for _, c := range item.LiveChildren() {
			if c.OutcomeStatus == domain.OutcomeAuthorised {
				return ValidationError{Field: "item_id", Message: fmt.Sprintf("cannot delete a group with authorised item %s", c.ID)}
			}
		}
		now := e.stamp()
		for _, c := range item.LiveChildren() {
			if err := e.Repo.SoftDeleteItem(ctx, tx, c.ID, now); err != nil {
				return fmt.Errorf("delete child %s: %w", c.ID, err)
			}
		}
		if err := e.Repo.SoftDeleteItem(ctx, tx, item.ID, now); err != nil {
			return fmt.Errorf("delete item: %w", err)
		}
		var err error
		if agg, err = e.reload(ctx, tx, agg.HealthCheck); err != nil {
			return err
		}
		out, err = e.recompute(ctx, tx, agg, actor, "")
		return err
	})
	return out, err
}

package engine

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"repairline/internal/domain"
)

// IntakeRequest describes a new health check with its findings and priced
// repair proposals.
type IntakeRequest struct {
	ID             string         `json:"id,omitempty" yaml:"id"`
	OrganizationID string         `json:"organization_id,omitempty" yaml:"organization_id"`
	SiteID         string         `json:"site_id,omitempty" yaml:"site_id"`
	VehicleReg     string         `json:"vehicle_reg,omitempty" yaml:"vehicle_reg"`
	Results        []IntakeResult `json:"results,omitempty" yaml:"results"`
	Items          []IntakeItem   `json:"items,omitempty" yaml:"items"`
}

type IntakeResult struct {
	ID        string          `json:"id" yaml:"id"`
	Name      string          `json:"name" yaml:"name"`
	RAGStatus domain.Severity `json:"rag_status,omitempty" yaml:"rag_status"`
	Notes     string          `json:"notes,omitempty" yaml:"notes"`
}

type IntakeItem struct {
	ID          string          `json:"id,omitempty" yaml:"id"`
	Name        string          `json:"name" yaml:"name"`
	Description string          `json:"description,omitempty" yaml:"description"`
	RAGStatus   domain.Severity `json:"rag_status,omitempty" yaml:"rag_status"`
	Money       domain.Money    `json:"money" yaml:"money"`
	Options     []IntakeOption  `json:"options,omitempty" yaml:"options"`
	Results     []string        `json:"results,omitempty" yaml:"results"`
	Children    []IntakeItem    `json:"children,omitempty" yaml:"children"`
	Group       bool            `json:"group,omitempty" yaml:"group"`
}

type IntakeOption struct {
	ID          string       `json:"id,omitempty" yaml:"id"`
	Name        string       `json:"name" yaml:"name"`
	Recommended bool         `json:"recommended,omitempty" yaml:"recommended"`
	Money       domain.Money `json:"money" yaml:"money"`
}

func (r IntakeRequest) validate() error {
	results := map[string]bool{}
	for i, cr := range r.Results {
		if cr.ID == "" || cr.Name == "" {
			return ValidationError{Field: fmt.Sprintf("results[%d]", i), Message: "id and name are required"}
		}
		if results[cr.ID] {
			return ValidationError{Field: fmt.Sprintf("results[%d]", i), Message: fmt.Sprintf("duplicate result id %s", cr.ID)}
		}
		if !cr.RAGStatus.Valid() {
			return ValidationError{Field: fmt.Sprintf("results[%d].rag_status", i), Message: fmt.Sprintf("invalid severity %q", cr.RAGStatus)}
		}
		results[cr.ID] = true
	}
	var check func(path string, it IntakeItem, depth int) error
	check = func(path string, it IntakeItem, depth int) error {
		if strings.TrimSpace(it.Name) == "" {
			return ValidationError{Field: path + ".name", Message: "is required"}
		}
		if !it.RAGStatus.Valid() {
			return ValidationError{Field: path + ".rag_status", Message: fmt.Sprintf("invalid severity %q", it.RAGStatus)}
		}
		if depth > 0 && (len(it.Children) > 0 || it.Group) {
			return ValidationError{Field: path, Message: "groups do not nest"}
		}
		if (it.Group || len(it.Children) > 0) && len(it.Results) > 0 {
			return ValidationError{Field: path + ".results", Message: "groups take findings through their children"}
		}
		for _, ref := range it.Results {
			if !results[ref] {
				return ValidationError{Field: path + ".results", Message: fmt.Sprintf("unknown result %s", ref)}
			}
		}
		for j, o := range it.Options {
			if strings.TrimSpace(o.Name) == "" {
				return ValidationError{Field: fmt.Sprintf("%s.options[%d].name", path, j), Message: "is required"}
			}
		}
		for j, c := range it.Children {
			if err := check(fmt.Sprintf("%s.children[%d]", path, j), c, depth+1); err != nil {
				return err
			}
		}
		return nil
	}
	for i, it := range r.Items {
		if err := check(fmt.Sprintf("items[%d]", i), it, 0); err != nil {
			return err
		}
	}
	return nil
}

func orNew(id string) string {
	if id != "" {
		return id
	}
	return uuid.NewString()
}

// Intake creates a health check with its items, options, findings and links,
// issues its portal link and records the initial status.
func (e Engine) Intake(ctx context.Context, req IntakeRequest, actor domain.Actor) (domain.Aggregate, error) {
	if err := validateActor(actor); err != nil {
		return domain.Aggregate{}, err
	}
	if err := req.validate(); err != nil {
		return domain.Aggregate{}, err
	}
	cfg := e.cfg()
	orgID := req.OrganizationID
	if orgID == "" {
		orgID = cfg.Organization.ID
	}
	status := domain.StatusCreated
	if cfg.Intake.ArrivalTracking {
		status = domain.StatusAwaitingArrival
	}
	now := e.stamp()
	expires := e.now().Add(cfg.LinkTTL()).UTC().Format(time.RFC3339)
	hc := domain.HealthCheck{
		ID:              orNew(req.ID),
		OrganizationID:  orgID,
		SiteID:          req.SiteID,
		VehicleReg:      req.VehicleReg,
		Status:          status,
		AccessToken:     uuid.NewString(),
		AccessExpiresAt: &expires,
		CreatedAt:       now,
		UpdatedAt:       now,
	}

	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Aggregate{}, err
	}
	defer tx.Rollback()

	if err := e.Repo.InsertHealthCheck(ctx, tx, hc); err != nil {
		return domain.Aggregate{}, fmt.Errorf("insert health check: %w", err)
	}
	for _, cr := range req.Results {
		if err := e.Repo.InsertCheckResult(ctx, tx, domain.CheckResult{
			ID: cr.ID, HealthCheckID: hc.ID, Name: cr.Name, RAGStatus: cr.RAGStatus, Notes: cr.Notes, CreatedAt: now,
		}); err != nil {
			return domain.Aggregate{}, fmt.Errorf("insert check result %s: %w", cr.ID, err)
		}
	}
	var insert func(it IntakeItem, parent *string, order int) error
	insert = func(it IntakeItem, parent *string, order int) error {
		item := domain.RepairItem{
			ID:                 orNew(it.ID),
			HealthCheckID:      hc.ID,
			ParentRepairItemID: parent,
			Name:               it.Name,
			Description:        it.Description,
			IsGroup:            it.Group || len(it.Children) > 0,
			Money:              it.Money,
			RAGStatus:          it.RAGStatus,
			OutcomeStatus:      domain.OutcomePending,
			SortOrder:          order,
			CreatedAt:          now,
			UpdatedAt:          now,
		}
		if err := e.Repo.InsertRepairItem(ctx, tx, item); err != nil {
			return fmt.Errorf("insert repair item %s: %w", it.Name, err)
		}
		for j, o := range it.Options {
			if err := e.Repo.InsertRepairOption(ctx, tx, domain.RepairOption{
				ID: orNew(o.ID), RepairItemID: item.ID, Name: o.Name, Recommended: o.Recommended, SortOrder: j, Money: o.Money, CreatedAt: now,
			}); err != nil {
				return fmt.Errorf("insert option %s: %w", o.Name, err)
			}
		}
		for _, ref := range it.Results {
			if err := e.Repo.LinkResult(ctx, tx, item.ID, ref); err != nil {
				return fmt.Errorf("link result %s: %w", ref, err)
			}
		}
		for j, c := range it.Children {
			id := item.ID
			if err := insert(c, &id, j); err != nil {
				return err
			}
		}
		return nil
	}
	for i, it := range req.Items {
		if err := insert(it, nil, i); err != nil {
			return domain.Aggregate{}, err
		}
	}
	if _, err := e.Events.Append(ctx, tx, domain.StatusHistory{
		HealthCheckID: hc.ID,
		ToStatus:      status,
		ChangedBy:     actor.ID,
		ChangeSource:  actor.Source,
		Notes:         "intake",
		CreatedAt:     now,
	}); err != nil {
		return domain.Aggregate{}, err
	}
	agg, err := e.reload(ctx, tx, hc)
	if err != nil {
		return domain.Aggregate{}, err
	}
	if _, err := e.recompute(ctx, tx, agg, actor, ""); err != nil {
		return domain.Aggregate{}, err
	}
	if agg, err = e.reload(ctx, tx, hc); err != nil {
		return domain.Aggregate{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.Aggregate{}, err
	}
	return agg, nil
}

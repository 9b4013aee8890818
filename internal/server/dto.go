package server

import (
	"fmt"

	"github.com/shopspring/decimal"

	"repairline/internal/domain"
	"repairline/internal/engine"
	"repairline/internal/workflow"
)

// Request payloads

// MoneyRequest carries amounts as decimal strings; empty means zero.
type MoneyRequest struct {
	Labour      string `json:"labour,omitempty" example:"45.00"`
	Parts       string `json:"parts,omitempty" example:"30.00"`
	Subtotal    string `json:"subtotal,omitempty"`
	VAT         string `json:"vat,omitempty"`
	TotalIncVAT string `json:"total_inc_vat,omitempty" example:"90.00"`
}

func parseAmount(field, v string) (decimal.Decimal, error) {
	if v == "" {
		return decimal.Zero, nil
	}
	d, err := decimal.NewFromString(v)
	if err != nil {
		return decimal.Zero, engine.ValidationError{Field: field, Message: fmt.Sprintf("invalid amount %q", v)}
	}
	return d, nil
}

func (m MoneyRequest) money(path string) (domain.Money, error) {
	var out domain.Money
	fields := []struct {
		name string
		raw  string
		dst  *decimal.Decimal
	}{
		{"labour", m.Labour, &out.Labour},
		{"parts", m.Parts, &out.Parts},
		{"subtotal", m.Subtotal, &out.Subtotal},
		{"vat", m.VAT, &out.VAT},
		{"total_inc_vat", m.TotalIncVAT, &out.TotalIncVAT},
	}
	for _, f := range fields {
		d, err := parseAmount(path+"."+f.name, f.raw)
		if err != nil {
			return domain.Money{}, err
		}
		*f.dst = d
	}
	return out, nil
}

type IntakeResultRequest struct {
	ID        string `json:"id"`
	Name      string `json:"name"`
	RAGStatus string `json:"rag_status,omitempty" enum:"red,amber,green"`
	Notes     string `json:"notes,omitempty"`
}

type IntakeOptionRequest struct {
	ID          string       `json:"id,omitempty"`
	Name        string       `json:"name"`
	Recommended bool         `json:"recommended,omitempty"`
	Money       MoneyRequest `json:"money,omitempty"`
}

type IntakeItemRequest struct {
	ID          string                `json:"id,omitempty"`
	Name        string                `json:"name"`
	Description string                `json:"description,omitempty"`
	RAGStatus   string                `json:"rag_status,omitempty" enum:"red,amber,green"`
	Group       bool                  `json:"group,omitempty"`
	Money       MoneyRequest          `json:"money,omitempty"`
	Options     []IntakeOptionRequest `json:"options,omitempty"`
	Results     []string              `json:"results,omitempty"`
	Children    []IntakeItemRequest   `json:"children,omitempty"`
}

type IntakeRequest struct {
	ID         string                `json:"id,omitempty"`
	SiteID     string                `json:"site_id,omitempty"`
	VehicleReg string                `json:"vehicle_reg,omitempty"`
	Results    []IntakeResultRequest `json:"results,omitempty"`
	Items      []IntakeItemRequest   `json:"items,omitempty"`
}

func (r IntakeItemRequest) intake(path string) (engine.IntakeItem, error) {
	m, err := r.Money.money(path + ".money")
	if err != nil {
		return engine.IntakeItem{}, err
	}
	it := engine.IntakeItem{
		ID:          r.ID,
		Name:        r.Name,
		Description: r.Description,
		RAGStatus:   domain.Severity(r.RAGStatus),
		Group:       r.Group,
		Money:       m,
		Results:     r.Results,
	}
	for i, o := range r.Options {
		om, err := o.Money.money(fmt.Sprintf("%s.options[%d].money", path, i))
		if err != nil {
			return engine.IntakeItem{}, err
		}
		it.Options = append(it.Options, engine.IntakeOption{ID: o.ID, Name: o.Name, Recommended: o.Recommended, Money: om})
	}
	for i, c := range r.Children {
		child, err := c.intake(fmt.Sprintf("%s.children[%d]", path, i))
		if err != nil {
			return engine.IntakeItem{}, err
		}
		it.Children = append(it.Children, child)
	}
	return it, nil
}

func (r IntakeRequest) intake(orgID string) (engine.IntakeRequest, error) {
	out := engine.IntakeRequest{ID: r.ID, OrganizationID: orgID, SiteID: r.SiteID, VehicleReg: r.VehicleReg}
	for _, cr := range r.Results {
		out.Results = append(out.Results, engine.IntakeResult{ID: cr.ID, Name: cr.Name, RAGStatus: domain.Severity(cr.RAGStatus), Notes: cr.Notes})
	}
	for i, it := range r.Items {
		item, err := it.intake(fmt.Sprintf("items[%d]", i))
		if err != nil {
			return engine.IntakeRequest{}, err
		}
		out.Items = append(out.Items, item)
	}
	return out, nil
}

type DecisionRequest struct {
	ItemID           string `json:"item_id"`
	Outcome          string `json:"outcome" enum:"pending,authorised,declined,deferred"`
	SelectedOptionID string `json:"selected_option_id,omitempty"`
	Reason           string `json:"reason,omitempty"`
	Notes            string `json:"notes,omitempty"`
}

func (d DecisionRequest) decision() engine.Decision {
	return engine.Decision{
		ItemID:           d.ItemID,
		Outcome:          domain.Outcome(d.Outcome),
		SelectedOptionID: d.SelectedOptionID,
		Reason:           d.Reason,
		Notes:            d.Notes,
	}
}

type BulkDecisionRequest struct {
	ItemIDs []string `json:"item_ids"`
	Outcome string   `json:"outcome" enum:"authorised,declined,deferred"`
	Reason  string   `json:"reason,omitempty"`
}

type DecideAllRequest struct {
	Outcome string `json:"outcome" enum:"authorised,declined,deferred"`
}

type AdvisorAuthorizationRequest struct {
	Decisions []DecisionRequest `json:"decisions"`
}

type TransitionRequest struct {
	Status string `json:"status"`
	Notes  string `json:"notes,omitempty"`
}

type CreateGroupRequest struct {
	Name      string   `json:"name"`
	MemberIDs []string `json:"member_ids"`
}

type RegroupRequest struct {
	MemberIDs []string `json:"member_ids"`
}

type DevLoginRequest struct {
	ActorID string `json:"actor_id"`
	OrgID   string `json:"org_id"`
}

// Responses

type DevLoginResponse struct {
	Token string `json:"token"`
}

type WhoAmIResponse struct {
	ActorID string `json:"actor_id"`
	OrgID   string `json:"org_id"`
	Source  string `json:"source"`
}

type MoneyResponse struct {
	Labour      string `json:"labour"`
	Parts       string `json:"parts"`
	Subtotal    string `json:"subtotal"`
	VAT         string `json:"vat"`
	TotalIncVAT string `json:"total_inc_vat"`
}

func money(d decimal.Decimal) string { return d.StringFixed(2) }

func moneyResponse(m domain.Money) MoneyResponse {
	return MoneyResponse{
		Labour:      money(m.Labour),
		Parts:       money(m.Parts),
		Subtotal:    money(m.Subtotal),
		VAT:         money(m.VAT),
		TotalIncVAT: money(m.TotalIncVAT),
	}
}

type HealthCheckResponse struct {
	ID                string  `json:"id"`
	OrganizationID    string  `json:"organization_id"`
	SiteID            string  `json:"site_id,omitempty"`
	VehicleReg        string  `json:"vehicle_reg,omitempty"`
	Status            string  `json:"status"`
	RedCount          int     `json:"red_count"`
	AmberCount        int     `json:"amber_count"`
	GreenCount        int     `json:"green_count"`
	TotalIdentified   string  `json:"total_identified"`
	TotalAuthorized   string  `json:"total_authorized"`
	TotalDeclined     string  `json:"total_declined"`
	TotalDeferred     string  `json:"total_deferred"`
	ArrivedAt         *string `json:"arrived_at,omitempty"`
	TechStartedAt     *string `json:"tech_started_at,omitempty"`
	TechCompletedAt   *string `json:"tech_completed_at,omitempty"`
	AdvisorReviewedAt *string `json:"advisor_reviewed_at,omitempty"`
	SentAt            *string `json:"sent_at,omitempty"`
	AccessExpiresAt   *string `json:"access_expires_at,omitempty"`
	CreatedAt         string  `json:"created_at"`
	UpdatedAt         string  `json:"updated_at"`
}

func healthCheckResponse(hc domain.HealthCheck) HealthCheckResponse {
	return HealthCheckResponse{
		ID:                hc.ID,
		OrganizationID:    hc.OrganizationID,
		SiteID:            hc.SiteID,
		VehicleReg:        hc.VehicleReg,
		Status:            string(hc.Status),
		RedCount:          hc.RedCount,
		AmberCount:        hc.AmberCount,
		GreenCount:        hc.GreenCount,
		TotalIdentified:   money(hc.TotalIdentified),
		TotalAuthorized:   money(hc.TotalAuthorized),
		TotalDeclined:     money(hc.TotalDeclined),
		TotalDeferred:     money(hc.TotalDeferred),
		ArrivedAt:         hc.ArrivedAt,
		TechStartedAt:     hc.TechStartedAt,
		TechCompletedAt:   hc.TechCompletedAt,
		AdvisorReviewedAt: hc.AdvisorReviewedAt,
		SentAt:            hc.SentAt,
		AccessExpiresAt:   hc.AccessExpiresAt,
		CreatedAt:         hc.CreatedAt,
		UpdatedAt:         hc.UpdatedAt,
	}
}

func healthCheckResponses(items []domain.HealthCheck) []HealthCheckResponse {
	out := make([]HealthCheckResponse, 0, len(items))
	for _, hc := range items {
		out = append(out, healthCheckResponse(hc))
	}
	return out
}

type OptionResponse struct {
	ID          string        `json:"id"`
	Name        string        `json:"name"`
	Recommended bool          `json:"recommended"`
	Money       MoneyResponse `json:"money"`
}

type FindingResponse struct {
	ID        string `json:"id"`
	Name      string `json:"name"`
	RAGStatus string `json:"rag_status,omitempty"`
	Notes     string `json:"notes,omitempty"`
}

type ItemResponse struct {
	ID               string            `json:"id"`
	Name             string            `json:"name"`
	Description      string            `json:"description,omitempty"`
	IsGroup          bool              `json:"is_group"`
	Severity         string            `json:"severity,omitempty"`
	Outcome          string            `json:"outcome"`
	CustomerApproved *bool             `json:"customer_approved"`
	Value            string            `json:"value"`
	Money            MoneyResponse     `json:"money"`
	SelectedOptionID *string           `json:"selected_option_id,omitempty"`
	DecisionSource   *string           `json:"decision_source,omitempty"`
	DecidedBy        *string           `json:"decided_by,omitempty"`
	DecidedAt        *string           `json:"decided_at,omitempty"`
	DecisionReason   *string           `json:"decision_reason,omitempty"`
	Deleted          bool              `json:"deleted,omitempty"`
	Options          []OptionResponse  `json:"options"`
	Findings         []FindingResponse `json:"findings"`
	Children         []ItemResponse    `json:"children"`
}

func itemResponse(it domain.RepairItem, agg workflow.Aggregator) ItemResponse {
	res := ItemResponse{
		ID:               it.ID,
		Name:             it.Name,
		Description:      it.Description,
		IsGroup:          it.IsGroup,
		Severity:         string(workflow.Severity(it)),
		Outcome:          string(workflow.Outcome(it)),
		Value:            money(agg.EffectiveTotal(it)),
		Money:            moneyResponse(it.Money),
		SelectedOptionID: it.SelectedOptionID,
		DecidedBy:        it.DecidedBy,
		DecidedAt:        it.DecidedAt,
		DecisionReason:   it.DecisionReason,
		Deleted:          it.Deleted(),
		Options:          []OptionResponse{},
		Findings:         []FindingResponse{},
		Children:         []ItemResponse{},
	}
	derived := it
	derived.OutcomeStatus = workflow.Outcome(it)
	res.CustomerApproved = derived.CustomerApproved()
	if it.DecisionSource != nil {
		src := string(*it.DecisionSource)
		res.DecisionSource = &src
	}
	for _, o := range it.Options {
		res.Options = append(res.Options, OptionResponse{ID: o.ID, Name: o.Name, Recommended: o.Recommended, Money: moneyResponse(o.Money)})
	}
	for _, r := range it.Results {
		res.Findings = append(res.Findings, FindingResponse{ID: r.ID, Name: r.Name, RAGStatus: string(r.RAGStatus), Notes: r.Notes})
	}
	for _, c := range it.Children {
		cr := itemResponse(c, agg)
		cr.Value = money(agg.MemberValue(it, c))
		res.Children = append(res.Children, cr)
	}
	return res
}

type BucketResponse struct {
	Count int    `json:"count"`
	Total string `json:"total"`
	Red   string `json:"red"`
	Amber string `json:"amber"`
	Green string `json:"green"`
}

func bucketResponse(b workflow.Bucket) BucketResponse {
	return BucketResponse{Count: b.Count, Total: money(b.Total), Red: money(b.Red), Amber: money(b.Amber), Green: money(b.Green)}
}

type TotalsResponse struct {
	Identified BucketResponse `json:"identified"`
	Authorized BucketResponse `json:"authorized"`
	Declined   BucketResponse `json:"declined"`
	Deferred   BucketResponse `json:"deferred"`
	Pending    BucketResponse `json:"pending"`
}

func totalsResponse(t workflow.Totals) TotalsResponse {
	return TotalsResponse{
		Identified: bucketResponse(t.Identified),
		Authorized: bucketResponse(t.Authorized),
		Declined:   bucketResponse(t.Declined),
		Deferred:   bucketResponse(t.Deferred),
		Pending:    bucketResponse(t.Pending),
	}
}

type SummaryResponse struct {
	HealthCheck     HealthCheckResponse `json:"health_check"`
	Items           []ItemResponse      `json:"items"`
	Totals          TotalsResponse      `json:"totals"`
	AllHaveOutcomes bool                `json:"all_have_outcomes"`
	ImpliedStatus   string              `json:"implied_status,omitempty"`
}

func summaryResponse(s engine.Summary, agg workflow.Aggregator) SummaryResponse {
	out := SummaryResponse{
		HealthCheck:     healthCheckResponse(s.Aggregate.HealthCheck),
		Items:           []ItemResponse{},
		Totals:          totalsResponse(s.Result.Totals),
		AllHaveOutcomes: s.Result.AllHaveOutcomes,
		ImpliedStatus:   string(s.Result.ImpliedStatus),
	}
	for _, it := range s.Aggregate.Items {
		out.Items = append(out.Items, itemResponse(it, agg))
	}
	return out
}

type RecomputeResponse struct {
	PreviousStatus string         `json:"previous_status"`
	NewStatus      *string        `json:"new_status"`
	ImpliedStatus  string         `json:"implied_status,omitempty"`
	Totals         TotalsResponse `json:"totals"`
}

func recomputeResponse(r engine.RecomputeResult) RecomputeResponse {
	out := RecomputeResponse{
		PreviousStatus: string(r.PreviousStatus),
		ImpliedStatus:  string(r.Summary.ImpliedStatus),
		Totals:         totalsResponse(r.Summary.Totals),
	}
	if r.NewStatus != nil {
		s := string(*r.NewStatus)
		out.NewStatus = &s
	}
	return out
}

type CreateGroupResponse struct {
	GroupID string            `json:"group_id"`
	Result  RecomputeResponse `json:"result"`
}

type HistoryResponse struct {
	ID           int64  `json:"id"`
	FromStatus   string `json:"from_status"`
	ToStatus     string `json:"to_status"`
	ChangedBy    string `json:"changed_by"`
	ChangeSource string `json:"change_source"`
	Notes        string `json:"notes,omitempty"`
	CreatedAt    string `json:"created_at"`
}

func historyResponses(rows []domain.StatusHistory) []HistoryResponse {
	out := make([]HistoryResponse, 0, len(rows))
	for _, h := range rows {
		out = append(out, HistoryResponse{
			ID:           h.ID,
			FromStatus:   string(h.FromStatus),
			ToStatus:     string(h.ToStatus),
			ChangedBy:    h.ChangedBy,
			ChangeSource: string(h.ChangeSource),
			Notes:        h.Notes,
			CreatedAt:    h.CreatedAt,
		})
	}
	return out
}

type AccessLinkResponse struct {
	Token     string  `json:"token"`
	ExpiresAt *string `json:"expires_at,omitempty"`
}

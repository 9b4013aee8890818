package domain

import "github.com/shopspring/decimal"

// Status is the lifecycle state of a health check.
type Status string

const (
	StatusAwaitingArrival Status = "awaiting_arrival"
	StatusAwaitingCheckin Status = "awaiting_checkin"
	StatusNoShow          Status = "no_show"
	StatusCreated         Status = "created"
	StatusAssigned        Status = "assigned"
	StatusInProgress      Status = "in_progress"
	StatusPaused          Status = "paused"
	StatusTechCompleted   Status = "tech_completed"
	StatusAwaitingReview  Status = "awaiting_review"
	StatusAwaitingPricing Status = "awaiting_pricing"
	StatusAwaitingParts   Status = "awaiting_parts"
	StatusReadyToSend     Status = "ready_to_send"
	StatusSent            Status = "sent"
	StatusDelivered       Status = "delivered"
	StatusOpened          Status = "opened"
	StatusPartialResponse Status = "partial_response"
	StatusAuthorized      Status = "authorized"
	StatusDeclined        Status = "declined"
	StatusExpired         Status = "expired"
	StatusCompleted       Status = "completed"
	StatusCancelled       Status = "cancelled"
)

// Severity is a RAG classification. The zero value means no data.
type Severity string

const (
	SeverityNone  Severity = ""
	SeverityGreen Severity = "green"
	SeverityAmber Severity = "amber"
	SeverityRed   Severity = "red"
)

// Valid reports whether s is one of the known severities, including none.
func (s Severity) Valid() bool {
	switch s {
	case SeverityNone, SeverityGreen, SeverityAmber, SeverityRed:
		return true
	}
	return false
}

// Outcome is the decision recorded against a repair item.
type Outcome string

const (
	OutcomePending    Outcome = "pending"
	OutcomeAuthorised Outcome = "authorised"
	OutcomeDeclined   Outcome = "declined"
	OutcomeDeferred   Outcome = "deferred"
)

// Valid reports whether o is a known outcome.
func (o Outcome) Valid() bool {
	switch o {
	case OutcomePending, OutcomeAuthorised, OutcomeDeclined, OutcomeDeferred:
		return true
	}
	return false
}

// Decided reports whether o is anything other than pending.
func (o Outcome) Decided() bool {
	return o != OutcomePending && o != ""
}

// Source identifies who caused a change.
type Source string

const (
	SourceUser           Source = "user"
	SourceSystem         Source = "system"
	SourceCustomerPortal Source = "customer_portal"
)

// Valid reports whether s is a known source.
func (s Source) Valid() bool {
	switch s {
	case SourceUser, SourceSystem, SourceCustomerPortal:
		return true
	}
	return false
}

// Actor is the principal applying a change.
type Actor struct {
	ID     string `json:"id"`
	Source Source `json:"source"`
}

type HealthCheck struct {
	ID                string          `json:"id"`
	OrganizationID    string          `json:"organization_id"`
	SiteID            string          `json:"site_id,omitempty"`
	VehicleReg        string          `json:"vehicle_reg,omitempty"`
	Status            Status          `json:"status"`
	ArrivedAt         *string         `json:"arrived_at,omitempty" format:"date-time"`
	TechStartedAt     *string         `json:"tech_started_at,omitempty" format:"date-time"`
	TechCompletedAt   *string         `json:"tech_completed_at,omitempty" format:"date-time"`
	AdvisorReviewedAt *string         `json:"advisor_reviewed_at,omitempty" format:"date-time"`
	SentAt            *string         `json:"sent_at,omitempty" format:"date-time"`
	RedCount          int             `json:"red_count"`
	AmberCount        int             `json:"amber_count"`
	GreenCount        int             `json:"green_count"`
	TotalIdentified   decimal.Decimal `json:"total_identified"`
	TotalAuthorized   decimal.Decimal `json:"total_authorized"`
	TotalDeclined     decimal.Decimal `json:"total_declined"`
	TotalDeferred     decimal.Decimal `json:"total_deferred"`
	AccessToken       string          `json:"-"`
	AccessExpiresAt   *string         `json:"access_expires_at,omitempty" format:"date-time"`
	CreatedAt         string          `json:"created_at" format:"date-time"`
	UpdatedAt         string          `json:"updated_at" format:"date-time"`
}

// Money holds the priced fields shared by items and options.
type Money struct {
	Labour      decimal.Decimal `json:"labour" yaml:"labour"`
	Parts       decimal.Decimal `json:"parts" yaml:"parts"`
	Subtotal    decimal.Decimal `json:"subtotal" yaml:"subtotal"`
	VAT         decimal.Decimal `json:"vat" yaml:"vat"`
	TotalIncVAT decimal.Decimal `json:"total_inc_vat" yaml:"total_inc_vat"`
}

// IsZero reports whether no money field is set.
func (m Money) IsZero() bool {
	return m.Labour.IsZero() && m.Parts.IsZero() && m.Subtotal.IsZero() && m.VAT.IsZero() && m.TotalIncVAT.IsZero()
}

// Add returns the field-wise sum of m and o.
func (m Money) Add(o Money) Money {
	return Money{
		Labour:      m.Labour.Add(o.Labour),
		Parts:       m.Parts.Add(o.Parts),
		Subtotal:    m.Subtotal.Add(o.Subtotal),
		VAT:         m.VAT.Add(o.VAT),
		TotalIncVAT: m.TotalIncVAT.Add(o.TotalIncVAT),
	}
}

// Sub returns the field-wise difference m - o.
func (m Money) Sub(o Money) Money {
	return Money{
		Labour:      m.Labour.Sub(o.Labour),
		Parts:       m.Parts.Sub(o.Parts),
		Subtotal:    m.Subtotal.Sub(o.Subtotal),
		VAT:         m.VAT.Sub(o.VAT),
		TotalIncVAT: m.TotalIncVAT.Sub(o.TotalIncVAT),
	}
}

type RepairOption struct {
	ID           string `json:"id"`
	RepairItemID string `json:"repair_item_id"`
	Name         string `json:"name"`
	Recommended  bool   `json:"recommended"`
	SortOrder    int    `json:"sort_order"`
	Money
	CreatedAt string `json:"created_at" format:"date-time"`

	// Lines break the option's money down by the item each amount was moved
	// from. Their sum never exceeds the option's own total.
	Lines []PricingLine `json:"lines,omitempty"`
}

// PricingLine is one priced row of an option, moved off SourceItemID when
// that item was grouped.
type PricingLine struct {
	ID             string `json:"id"`
	RepairOptionID string `json:"repair_option_id"`
	SourceItemID   string `json:"source_item_id"`
	Money
	CreatedAt string `json:"created_at" format:"date-time"`
}

type CheckResult struct {
	ID            string   `json:"id"`
	HealthCheckID string   `json:"health_check_id"`
	Name          string   `json:"name"`
	RAGStatus     Severity `json:"rag_status,omitempty"`
	Notes         string   `json:"notes,omitempty"`
	CreatedAt     string   `json:"created_at" format:"date-time"`
}

type RepairItem struct {
	ID                 string  `json:"id"`
	HealthCheckID      string  `json:"health_check_id"`
	ParentRepairItemID *string `json:"parent_repair_item_id,omitempty"`
	Name               string  `json:"name"`
	Description        string  `json:"description,omitempty"`
	IsGroup            bool    `json:"is_group"`
	Money
	RAGStatus        Severity `json:"rag_status,omitempty"`
	OutcomeStatus    Outcome  `json:"outcome_status"`
	SelectedOptionID *string  `json:"selected_option_id,omitempty"`
	DecisionSource   *Source  `json:"decision_source,omitempty"`
	DecidedBy        *string  `json:"decided_by,omitempty"`
	DecidedAt        *string  `json:"decided_at,omitempty" format:"date-time"`
	DecisionReason   *string  `json:"decision_reason,omitempty"`
	DecisionNotes    *string  `json:"decision_notes,omitempty"`
	SortOrder        int      `json:"sort_order"`
	DeletedAt        *string  `json:"deleted_at,omitempty" format:"date-time"`
	CreatedAt        string   `json:"created_at" format:"date-time"`
	UpdatedAt        string   `json:"updated_at" format:"date-time"`

	// Populated by the repository when loading an aggregate.
	Options  []RepairOption `json:"options,omitempty"`
	Results  []CheckResult  `json:"results,omitempty"`
	Children []RepairItem   `json:"children,omitempty"`
}

// Deleted reports whether the item is soft-deleted.
func (i RepairItem) Deleted() bool { return i.DeletedAt != nil }

// CustomerApproved maps the outcome onto the portal tri-state: true when
// authorised, false when declined, nil otherwise.
func (i RepairItem) CustomerApproved() *bool {
	var v bool
	switch i.OutcomeStatus {
	case OutcomeAuthorised:
		v = true
	case OutcomeDeclined:
		v = false
	default:
		return nil
	}
	return &v
}

// Option returns the option with the given id.
func (i RepairItem) Option(id string) (RepairOption, bool) {
	for _, o := range i.Options {
		if o.ID == id {
			return o, true
		}
	}
	return RepairOption{}, false
}

// LiveChildren returns the non-deleted children.
func (i RepairItem) LiveChildren() []RepairItem {
	var out []RepairItem
	for _, c := range i.Children {
		if !c.Deleted() {
			out = append(out, c)
		}
	}
	return out
}

type StatusHistory struct {
	ID            int64  `json:"id"`
	HealthCheckID string `json:"health_check_id"`
	FromStatus    Status `json:"from_status"`
	ToStatus      Status `json:"to_status"`
	ChangedBy     string `json:"changed_by"`
	ChangeSource  Source `json:"change_source"`
	Notes         string `json:"notes,omitempty"`
	CreatedAt     string `json:"created_at" format:"date-time"`
}

// Aggregate is the normalized health check tree: top-level items only, with
// group children nested one level deep.
type Aggregate struct {
	HealthCheck HealthCheck   `json:"health_check"`
	Items       []RepairItem  `json:"items"`
	Results     []CheckResult `json:"results"`
}

// FindItem returns the item (top-level or child) with the given id.
func (a Aggregate) FindItem(id string) (RepairItem, bool) {
	for _, it := range a.Items {
		if it.ID == id {
			return it, true
		}
		for _, c := range it.Children {
			if c.ID == id {
				return c, true
			}
		}
	}
	return RepairItem{}, false
}

package workflow

import (
	"sort"

	"github.com/shopspring/decimal"

	"repairline/internal/domain"
)

// DefaultVATRate is the reference deployment's VAT rate.
var DefaultVATRate = decimal.RequireFromString("0.20")

// Bucket accumulates a count and an unrounded sum, split by severity.
type Bucket struct {
	Count int             `json:"count"`
	Total decimal.Decimal `json:"total"`
	Red   decimal.Decimal `json:"red"`
	Amber decimal.Decimal `json:"amber"`
	Green decimal.Decimal `json:"green"`
}

func (b *Bucket) add(v decimal.Decimal, sev domain.Severity) {
	b.Count++
	b.Total = b.Total.Add(v)
	switch sev {
	case domain.SeverityRed:
		b.Red = b.Red.Add(v)
	case domain.SeverityAmber:
		b.Amber = b.Amber.Add(v)
	case domain.SeverityGreen:
		b.Green = b.Green.Add(v)
	}
}

// Rounded returns a copy with every sum rounded to 2 decimal places.
func (b Bucket) Rounded() Bucket {
	return Bucket{
		Count: b.Count,
		Total: b.Total.Round(2),
		Red:   b.Red.Round(2),
		Amber: b.Amber.Round(2),
		Green: b.Green.Round(2),
	}
}

// Totals are the decision-weighted financial buckets of a health check.
type Totals struct {
	Identified Bucket `json:"identified"`
	Authorized Bucket `json:"authorized"`
	Declined   Bucket `json:"declined"`
	Deferred   Bucket `json:"deferred"`
	Pending    Bucket `json:"pending"`
}

// Rounded applies presentation rounding to every bucket.
func (t Totals) Rounded() Totals {
	return Totals{
		Identified: t.Identified.Rounded(),
		Authorized: t.Authorized.Rounded(),
		Declined:   t.Declined.Rounded(),
		Deferred:   t.Deferred.Rounded(),
		Pending:    t.Pending.Rounded(),
	}
}

// ItemSummary is the resolved view of one top-level item or child.
type ItemSummary struct {
	ID       string          `json:"id"`
	Name     string          `json:"name"`
	IsGroup  bool            `json:"is_group"`
	Outcome  domain.Outcome  `json:"outcome"`
	Severity domain.Severity `json:"severity,omitempty"`
	Value    decimal.Decimal `json:"value"`
	// Degenerate marks a group without live children; no decision is possible.
	Degenerate bool          `json:"degenerate,omitempty"`
	Children   []ItemSummary `json:"children,omitempty"`
}

// Result is the output of one aggregation pass.
type Result struct {
	Items           []ItemSummary `json:"items"`
	Totals          Totals        `json:"totals"`
	Units           int           `json:"units"`
	AllHaveOutcomes bool          `json:"all_have_outcomes"`
	AnyAuthorised   bool          `json:"any_authorised"`
	AnyDecided      bool          `json:"any_decided"`
	ImpliedStatus   domain.Status `json:"implied_status,omitempty"`
	RedCount        int           `json:"red_count"`
	AmberCount      int           `json:"amber_count"`
	GreenCount      int           `json:"green_count"`
}

// Implied returns the document status implied by the decisions, if any.
func (r Result) Implied() (domain.Status, bool) {
	return r.ImpliedStatus, r.ImpliedStatus != ""
}

// Aggregator rolls item decisions up into a document status and totals.
type Aggregator struct {
	VATRate decimal.Decimal
}

// NewAggregator returns an aggregator using vatRate (0.20 for 20%).
func NewAggregator(vatRate decimal.Decimal) Aggregator {
	return Aggregator{VATRate: vatRate}
}

// moneyTotal uses the precomputed total when present and otherwise
// synthesizes (labour + parts) * (1 + VAT).
func (a Aggregator) moneyTotal(m domain.Money) decimal.Decimal {
	if !m.TotalIncVAT.IsZero() {
		return m.TotalIncVAT
	}
	return m.Labour.Add(m.Parts).Mul(decimal.NewFromInt(1).Add(a.VATRate))
}

// Priced returns m with TotalIncVAT filled in, so summing priced money keeps
// each part's effective total.
func (a Aggregator) Priced(m domain.Money) domain.Money {
	m.TotalIncVAT = a.moneyTotal(m)
	return m
}

// DefaultOption picks the recommended option, else the first by sort order.
func DefaultOption(options []domain.RepairOption) (domain.RepairOption, bool) {
	if len(options) == 0 {
		return domain.RepairOption{}, false
	}
	sorted := append([]domain.RepairOption(nil), options...)
	sort.SliceStable(sorted, func(i, j int) bool {
		if sorted[i].Recommended != sorted[j].Recommended {
			return sorted[i].Recommended
		}
		if sorted[i].SortOrder != sorted[j].SortOrder {
			return sorted[i].SortOrder < sorted[j].SortOrder
		}
		return sorted[i].ID < sorted[j].ID
	})
	return sorted[0], true
}

// ValuingOption is the option that prices the item: the selected option, else
// the default one.
func ValuingOption(item domain.RepairItem) (domain.RepairOption, bool) {
	if item.SelectedOptionID != nil {
		if opt, ok := item.Option(*item.SelectedOptionID); ok {
			return opt, true
		}
	}
	return DefaultOption(item.Options)
}

// OwnValue is the value an item carries by itself, ignoring any children:
// its valuing option when options exist, else the item's own money fields.
func (a Aggregator) OwnValue(item domain.RepairItem) decimal.Decimal {
	if opt, ok := ValuingOption(item); ok {
		return a.moneyTotal(opt.Money)
	}
	return a.moneyTotal(item.Money)
}

// MemberShares splits a priced group's own value by the pricing lines of its
// valuing option. shares holds the amount moved off each live member; rest is
// whatever no member owns. Lines of deleted members are dropped from both.
func (a Aggregator) MemberShares(group domain.RepairItem) (rest decimal.Decimal, shares map[string]decimal.Decimal) {
	rest = a.OwnValue(group)
	shares = map[string]decimal.Decimal{}
	opt, ok := ValuingOption(group)
	if !ok {
		return rest, shares
	}
	live := map[string]bool{}
	for _, c := range group.Children {
		live[c.ID] = !c.Deleted()
	}
	for _, l := range opt.Lines {
		isLive, member := live[l.SourceItemID]
		if !member {
			continue
		}
		v := a.moneyTotal(l.Money)
		rest = rest.Sub(v)
		if isLive {
			shares[l.SourceItemID] = shares[l.SourceItemID].Add(v)
		}
	}
	return rest, shares
}

// EffectiveTotal is the value of an item. A group that carries no pricing of
// its own is worth the sum of its live children; a priced group is worth its
// own value less the lines of deleted members.
func (a Aggregator) EffectiveTotal(item domain.RepairItem) decimal.Decimal {
	if !item.IsGroup {
		return a.OwnValue(item)
	}
	if !CarriesPricing(item) {
		sum := decimal.Zero
		for _, c := range item.LiveChildren() {
			sum = sum.Add(a.EffectiveTotal(c))
		}
		return sum
	}
	rest, shares := a.MemberShares(item)
	for _, v := range shares {
		rest = rest.Add(v)
	}
	return rest
}

// MemberValue is the value child contributes inside group.
func (a Aggregator) MemberValue(group, child domain.RepairItem) decimal.Decimal {
	if !CarriesPricing(group) {
		return a.EffectiveTotal(child)
	}
	_, shares := a.MemberShares(group)
	return shares[child.ID]
}

// CarriesPricing reports whether the item has options or money of its own.
func CarriesPricing(item domain.RepairItem) bool {
	return len(item.Options) > 0 || !item.Money.IsZero()
}

func itemOutcome(item domain.RepairItem) domain.Outcome {
	if item.OutcomeStatus == "" {
		return domain.OutcomePending
	}
	return item.OutcomeStatus
}

// GroupOutcome derives a group's outcome from its live children: pending
// while any child is pending, then authorised if any child is. ok is false
// when the group has no live children.
func GroupOutcome(group domain.RepairItem) (domain.Outcome, bool) {
	children := group.LiveChildren()
	if len(children) == 0 {
		return domain.OutcomePending, false
	}
	var pending, authorised, deferred bool
	for _, c := range children {
		switch itemOutcome(c) {
		case domain.OutcomeAuthorised:
			authorised = true
		case domain.OutcomePending:
			pending = true
		case domain.OutcomeDeferred:
			deferred = true
		}
	}
	switch {
	case pending:
		return domain.OutcomePending, true
	case authorised:
		return domain.OutcomeAuthorised, true
	case deferred:
		return domain.OutcomeDeferred, true
	default:
		return domain.OutcomeDeclined, true
	}
}

// Outcome resolves any item; groups are derived, leaves are authoritative.
func Outcome(item domain.RepairItem) domain.Outcome {
	if item.IsGroup {
		o, _ := GroupOutcome(item)
		return o
	}
	return itemOutcome(item)
}

func (t *Totals) record(o domain.Outcome, v decimal.Decimal, sev domain.Severity) {
	switch o {
	case domain.OutcomeAuthorised:
		t.Authorized.add(v, sev)
	case domain.OutcomeDeclined:
		t.Declined.add(v, sev)
	case domain.OutcomeDeferred:
		t.Deferred.add(v, sev)
	default:
		t.Pending.add(v, sev)
	}
}

// Aggregate evaluates the top-level items of a health check. Deleted items
// and deleted children are ignored; results feed the RAG counts.
func (a Aggregator) Aggregate(items []domain.RepairItem, results []domain.CheckResult) Result {
	var res Result
	res.Items = []ItemSummary{}
	allHave := true
	for _, r := range results {
		switch r.RAGStatus {
		case domain.SeverityRed:
			res.RedCount++
		case domain.SeverityAmber:
			res.AmberCount++
		case domain.SeverityGreen:
			res.GreenCount++
		}
	}
	for _, item := range items {
		if item.Deleted() || item.ParentRepairItemID != nil {
			continue
		}
		if !item.IsGroup {
			o := itemOutcome(item)
			v := a.EffectiveTotal(item)
			sev := ItemSeverity(item)
			res.Totals.Identified.add(v, sev)
			res.Totals.record(o, v, sev)
			res.Units++
			if !o.Decided() {
				allHave = false
			}
			if o == domain.OutcomeAuthorised {
				res.AnyAuthorised = true
			}
			if o.Decided() {
				res.AnyDecided = true
			}
			res.Items = append(res.Items, ItemSummary{ID: item.ID, Name: item.Name, Outcome: o, Severity: sev, Value: v})
			continue
		}
		res.Items = append(res.Items, a.aggregateGroup(item, &res, &allHave))
	}
	res.AllHaveOutcomes = res.Units > 0 && allHave
	switch {
	case res.AllHaveOutcomes && res.AnyAuthorised:
		res.ImpliedStatus = domain.StatusAuthorized
	case res.AllHaveOutcomes:
		res.ImpliedStatus = domain.StatusDeclined
	case res.AnyDecided:
		res.ImpliedStatus = domain.StatusPartialResponse
	}
	return res
}

func (a Aggregator) aggregateGroup(group domain.RepairItem, res *Result, allHave *bool) ItemSummary {
	sev := GroupSeverity(group)
	summary := ItemSummary{ID: group.ID, Name: group.Name, IsGroup: true, Severity: sev}
	priced := CarriesPricing(group)
	rest, shares := decimal.Zero, map[string]decimal.Decimal{}
	if priced {
		rest, shares = a.MemberShares(group)
	}
	children := group.LiveChildren()
	for _, c := range children {
		co := itemOutcome(c)
		if co.Decided() {
			res.AnyDecided = true
		}
		v := a.EffectiveTotal(c)
		if priced {
			v = shares[c.ID]
		}
		summary.Children = append(summary.Children, ItemSummary{
			ID:       c.ID,
			Name:     c.Name,
			Outcome:  co,
			Severity: ItemSeverity(c),
			Value:    v,
		})
	}
	o, ok := GroupOutcome(group)
	summary.Outcome = o
	if !ok {
		// No decision possible; any pricing still counts as identified work.
		summary.Degenerate = true
		if priced {
			summary.Value = rest
			res.Totals.Identified.add(rest, sev)
		}
		return summary
	}
	res.Units++
	if !o.Decided() {
		*allHave = false
	}
	if o == domain.OutcomeAuthorised {
		res.AnyAuthorised = true
	}
	// Each child's value lands in its own decision bucket, so an authorised
	// group contributes exactly its authorised children. Group pricing that
	// no member owns follows the group's derived outcome.
	summary.Value = decimal.Zero
	for i, c := range children {
		v := summary.Children[i].Value
		if _, owns := shares[c.ID]; priced && !owns {
			continue
		}
		csev := summary.Children[i].Severity
		summary.Value = summary.Value.Add(v)
		res.Totals.Identified.add(v, csev)
		res.Totals.record(itemOutcome(c), v, csev)
	}
	if priced && (!rest.IsZero() || len(shares) == 0) {
		summary.Value = summary.Value.Add(rest)
		res.Totals.Identified.add(rest, sev)
		res.Totals.record(o, rest, sev)
	}
	return summary
}

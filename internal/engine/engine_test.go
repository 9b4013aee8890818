package engine_test

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"repairline/internal/config"
	"repairline/internal/db"
	"repairline/internal/domain"
	"repairline/internal/engine"
	"repairline/internal/migrate"
)

var (
	staff = domain.Actor{ID: "advisor-1", Source: domain.SourceUser}
	t0    = time.Date(2024, 1, 1, 9, 0, 0, 0, time.UTC)
)

type testEnv struct {
	Engine engine.Engine
	Ctx    context.Context
	Org    string
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	dir := t.TempDir()
	conn, err := db.Open(db.Config{Workspace: dir})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	if err := migrate.Migrate(conn); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	cfg := config.Default()
	eng := engine.New(conn, cfg, zap.NewNop())
	env := &testEnv{Engine: eng, Ctx: context.Background(), Org: cfg.Organization.ID}
	env.setNow(t0)
	return env
}

func (env *testEnv) setNow(ts time.Time) {
	env.Engine.Now = func() time.Time { return ts }
	env.Engine.Events.Now = env.Engine.Now
}

func (env *testEnv) scope(id string) engine.Scope {
	return engine.Scope{HealthCheckID: id, OrganizationID: env.Org}
}

func money(total string) domain.Money {
	return domain.Money{TotalIncVAT: decimal.RequireFromString(total)}
}

func threeItems(id string) engine.IntakeRequest {
	return engine.IntakeRequest{
		ID:         id,
		VehicleReg: "AB12 CDE",
		Results: []engine.IntakeResult{
			{ID: id + "-r1", Name: "Front pads", RAGStatus: domain.SeverityRed},
			{ID: id + "-r2", Name: "Wipers", RAGStatus: domain.SeverityAmber},
		},
		Items: []engine.IntakeItem{
			{ID: "brakes", Name: "Brake pads", Money: money("120"), Results: []string{id + "-r1"}},
			{ID: "wipers", Name: "Wiper blades", Money: money("30"), Results: []string{id + "-r2"}},
			{ID: "tyres", Name: "Tyres", Money: money("250")},
		},
	}
}

func (env *testEnv) intake(t *testing.T, req engine.IntakeRequest) domain.Aggregate {
	t.Helper()
	agg, err := env.Engine.Intake(env.Ctx, req, staff)
	if err != nil {
		t.Fatalf("intake: %v", err)
	}
	return agg
}

// walk applies staff transitions in order.
func (env *testEnv) walk(t *testing.T, id string, path ...domain.Status) {
	t.Helper()
	for _, to := range path {
		if _, err := env.Engine.Transition(env.Ctx, env.scope(id), to, staff, ""); err != nil {
			t.Fatalf("transition to %s: %v", to, err)
		}
	}
}

var toSent = []domain.Status{
	domain.StatusAssigned, domain.StatusInProgress, domain.StatusTechCompleted,
	domain.StatusAwaitingPricing, domain.StatusReadyToSend, domain.StatusSent,
}

var toOpened = append(append([]domain.Status{}, toSent...), domain.StatusDelivered, domain.StatusOpened)

func (env *testEnv) status(t *testing.T, id string) domain.Status {
	t.Helper()
	s, err := env.Engine.Summary(env.Ctx, env.scope(id))
	if err != nil {
		t.Fatalf("summary: %v", err)
	}
	return s.Aggregate.HealthCheck.Status
}

func (env *testEnv) historyTo(t *testing.T, id string, to domain.Status) int {
	t.Helper()
	hist, err := env.Engine.History(env.Ctx, env.scope(id))
	if err != nil {
		t.Fatalf("history: %v", err)
	}
	n := 0
	for _, h := range hist {
		if h.ToStatus == to {
			n++
		}
	}
	return n
}

func decide(t *testing.T, env *testEnv, id, item string, o domain.Outcome) engine.RecomputeResult {
	t.Helper()
	res, err := env.Engine.ApplyDecision(env.Ctx, env.scope(id), engine.Decision{ItemID: item, Outcome: o}, staff)
	if err != nil {
		t.Fatalf("decide %s %s: %v", item, o, err)
	}
	return res
}

func TestIntakeCreatesCheck(t *testing.T) {
	env := newTestEnv(t)
	agg := env.intake(t, threeItems("hc-1"))
	hc := agg.HealthCheck
	if hc.Status != domain.StatusCreated {
		t.Fatalf("expected created, got %s", hc.Status)
	}
	if hc.AccessToken == "" || hc.AccessExpiresAt == nil {
		t.Fatalf("expected portal link to be issued")
	}
	if hc.TotalIdentified.StringFixed(2) != "400.00" {
		t.Fatalf("expected identified 400.00, got %s", hc.TotalIdentified)
	}
	if hc.RedCount != 1 || hc.AmberCount != 1 || hc.GreenCount != 0 {
		t.Fatalf("unexpected rag counts %d/%d/%d", hc.RedCount, hc.AmberCount, hc.GreenCount)
	}
	if len(agg.Items) != 3 || len(agg.Items[0].Results) != 1 {
		t.Fatalf("unexpected items %+v", agg.Items)
	}
	hist, err := env.Engine.History(env.Ctx, env.scope("hc-1"))
	if err != nil || len(hist) != 1 || hist[0].FromStatus != "" || hist[0].ToStatus != domain.StatusCreated {
		t.Fatalf("expected one intake history row, got %+v (%v)", hist, err)
	}
}

func TestIntakeWithArrivalTracking(t *testing.T) {
	env := newTestEnv(t)
	env.Engine.Config.Intake.ArrivalTracking = true
	env.Engine.Config.Intake.CheckinEnabled = true
	agg := env.intake(t, threeItems("hc-arr"))
	if agg.HealthCheck.Status != domain.StatusAwaitingArrival {
		t.Fatalf("expected awaiting_arrival, got %s", agg.HealthCheck.Status)
	}
	hc, err := env.Engine.MarkArrived(env.Ctx, env.scope("hc-arr"), staff)
	if err != nil {
		t.Fatalf("mark arrived: %v", err)
	}
	if hc.Status != domain.StatusAwaitingCheckin || hc.ArrivedAt == nil {
		t.Fatalf("expected awaiting_checkin with arrival stamp, got %s %v", hc.Status, hc.ArrivedAt)
	}
}

func TestIntakeRejectsNestedGroups(t *testing.T) {
	env := newTestEnv(t)
	req := engine.IntakeRequest{Items: []engine.IntakeItem{{
		Name: "Service", Children: []engine.IntakeItem{{Name: "Oil", Children: []engine.IntakeItem{{Name: "Filter"}}}},
	}}}
	_, err := env.Engine.Intake(env.Ctx, req, staff)
	var verr engine.ValidationError
	if !errors.As(err, &verr) {
		t.Fatalf("expected validation error, got %v", err)
	}
}

func TestFirstDecisionMovesToPartialResponse(t *testing.T) {
	env := newTestEnv(t)
	env.intake(t, threeItems("hc-a"))
	env.walk(t, "hc-a", toOpened...)

	res := decide(t, env, "hc-a", "brakes", domain.OutcomeAuthorised)
	if res.NewStatus == nil || *res.NewStatus != domain.StatusPartialResponse {
		t.Fatalf("expected partial_response, got %+v", res.NewStatus)
	}
	res = decide(t, env, "hc-a", "wipers", domain.OutcomeDeclined)
	if res.NewStatus != nil {
		t.Fatalf("expected no further transition, got %s", *res.NewStatus)
	}
	if got := env.status(t, "hc-a"); got != domain.StatusPartialResponse {
		t.Fatalf("expected partial_response, got %s", got)
	}
	if res.Summary.Totals.Authorized.Total.StringFixed(2) != "120.00" || res.Summary.Totals.Declined.Total.StringFixed(2) != "30.00" {
		t.Fatalf("unexpected totals %+v", res.Summary.Totals)
	}
}

func TestFinalDecisionSettlesStatus(t *testing.T) {
	env := newTestEnv(t)
	env.intake(t, threeItems("hc-b"))
	env.walk(t, "hc-b", toOpened...)
	decide(t, env, "hc-b", "brakes", domain.OutcomeDeclined)
	decide(t, env, "hc-b", "wipers", domain.OutcomeDeclined)
	res := decide(t, env, "hc-b", "tyres", domain.OutcomeDeferred)
	if res.NewStatus == nil || *res.NewStatus != domain.StatusDeclined {
		t.Fatalf("expected declined, got %+v", res.NewStatus)
	}
	if res.Summary.Totals.Deferred.Count != 1 || res.Summary.Totals.Deferred.Total.StringFixed(2) != "250.00" {
		t.Fatalf("unexpected deferred bucket %+v", res.Summary.Totals.Deferred)
	}

	env.intake(t, threeItems("hc-c"))
	env.walk(t, "hc-c", toOpened...)
	decide(t, env, "hc-c", "brakes", domain.OutcomeAuthorised)
	decide(t, env, "hc-c", "wipers", domain.OutcomeDeclined)
	res = decide(t, env, "hc-c", "tyres", domain.OutcomeDeclined)
	if res.NewStatus == nil || *res.NewStatus != domain.StatusAuthorized {
		t.Fatalf("expected authorized, got %+v", res.NewStatus)
	}
}

func optionRequest(id string) engine.IntakeRequest {
	return engine.IntakeRequest{
		ID: id,
		Items: []engine.IntakeItem{{
			ID:   "discs",
			Name: "Brake discs",
			Options: []engine.IntakeOption{
				{ID: "discs-repair", Name: "Skim", Money: money("90")},
				{ID: "discs-replace", Name: "Replace", Recommended: true, Money: money("310")},
			},
		}},
	}
}

func TestAuthoriseWithoutOptionFails(t *testing.T) {
	env := newTestEnv(t)
	env.intake(t, optionRequest("hc-e"))
	_, err := env.Engine.ApplyDecision(env.Ctx, env.scope("hc-e"), engine.Decision{ItemID: "discs", Outcome: domain.OutcomeAuthorised}, staff)
	var verr engine.ValidationError
	if !errors.As(err, &verr) || verr.Field != "selected_option_id" {
		t.Fatalf("expected selected_option_id validation error, got %v", err)
	}
	_, err = env.Engine.ApplyDecision(env.Ctx, env.scope("hc-e"), engine.Decision{ItemID: "discs", Outcome: domain.OutcomeAuthorised, SelectedOptionID: "missing"}, staff)
	if !errors.As(err, &verr) {
		t.Fatalf("expected validation error for unknown option, got %v", err)
	}
	res, err := env.Engine.ApplyDecision(env.Ctx, env.scope("hc-e"), engine.Decision{ItemID: "discs", Outcome: domain.OutcomeAuthorised, SelectedOptionID: "discs-repair"}, staff)
	if err != nil {
		t.Fatalf("authorise with option: %v", err)
	}
	if res.Summary.Totals.Authorized.Total.StringFixed(2) != "90.00" {
		t.Fatalf("expected selected option total, got %s", res.Summary.Totals.Authorized.Total)
	}
	_, err = env.Engine.ApplyDecision(env.Ctx, env.scope("hc-e"), engine.Decision{ItemID: "discs", Outcome: "maybe"}, staff)
	if !errors.As(err, &verr) {
		t.Fatalf("expected validation error for bad decision, got %v", err)
	}
}

func TestCompletedStaysCompleted(t *testing.T) {
	env := newTestEnv(t)
	env.intake(t, threeItems("hc-f"))
	env.walk(t, "hc-f", toOpened...)
	if _, err := env.Engine.DecideAllPending(env.Ctx, env.scope("hc-f"), domain.OutcomeAuthorised, staff); err != nil {
		t.Fatalf("decide all: %v", err)
	}
	env.walk(t, "hc-f", domain.StatusCompleted)

	decide(t, env, "hc-f", "tyres", domain.OutcomePending)
	res, err := env.Engine.RecomputeAndMaybeTransition(env.Ctx, env.scope("hc-f"), engine.SystemActor)
	if err != nil {
		t.Fatalf("recompute: %v", err)
	}
	if res.NewStatus != nil || res.PreviousStatus != domain.StatusCompleted {
		t.Fatalf("expected no change from completed, got %+v", res)
	}
	if got := env.status(t, "hc-f"); got != domain.StatusCompleted {
		t.Fatalf("expected completed, got %s", got)
	}
	_, err = env.Engine.Transition(env.Ctx, env.scope("hc-f"), domain.StatusCancelled, staff, "")
	var serr engine.InvalidStatusError
	if !errors.As(err, &serr) {
		t.Fatalf("expected invalid status error, got %v", err)
	}
}

func TestRepeatedDecisionIsIdempotent(t *testing.T) {
	env := newTestEnv(t)
	env.intake(t, threeItems("hc-i"))
	env.walk(t, "hc-i", toOpened...)
	first := decide(t, env, "hc-i", "brakes", domain.OutcomeAuthorised)
	s1, _ := env.Engine.Summary(env.Ctx, env.scope("hc-i"))
	item1, _ := s1.Aggregate.FindItem("brakes")

	env.setNow(t0.Add(time.Hour))
	second := decide(t, env, "hc-i", "brakes", domain.OutcomeAuthorised)
	s2, _ := env.Engine.Summary(env.Ctx, env.scope("hc-i"))
	item2, _ := s2.Aggregate.FindItem("brakes")

	if second.NewStatus != nil {
		t.Fatalf("expected no transition on repeat")
	}
	if n := env.historyTo(t, "hc-i", domain.StatusPartialResponse); n != 1 {
		t.Fatalf("expected one partial_response row, got %d", n)
	}
	if *item1.DecidedAt != *item2.DecidedAt {
		t.Fatalf("decision timestamp changed on identical decision: %s -> %s", *item1.DecidedAt, *item2.DecidedAt)
	}
	if !first.Summary.Totals.Authorized.Total.Equal(second.Summary.Totals.Authorized.Total) {
		t.Fatalf("totals changed on repeat")
	}
}

func TestTransitionPolicy(t *testing.T) {
	env := newTestEnv(t)
	env.intake(t, threeItems("hc-p"))
	env.walk(t, "hc-p", toSent...)

	// sent -> partial_response is not an edge.
	res := decide(t, env, "hc-p", "brakes", domain.OutcomeAuthorised)
	if res.NewStatus != nil {
		t.Fatalf("expected silent skip, got %s", *res.NewStatus)
	}
	if got := env.status(t, "hc-p"); got != domain.StatusSent {
		t.Fatalf("expected sent, got %s", got)
	}

	env.Engine.Policy = engine.StrictTransitions
	_, err := env.Engine.ApplyDecision(env.Ctx, env.scope("hc-p"), engine.Decision{ItemID: "wipers", Outcome: domain.OutcomeDeclined}, staff)
	var serr engine.InvalidStatusError
	if !errors.As(err, &serr) || serr.Status != domain.StatusSent {
		t.Fatalf("expected strict invalid status error, got %v", err)
	}
	s, _ := env.Engine.Summary(env.Ctx, env.scope("hc-p"))
	wipers, _ := s.Aggregate.FindItem("wipers")
	if wipers.OutcomeStatus != domain.OutcomePending {
		t.Fatalf("strict failure should roll back the decision, got %s", wipers.OutcomeStatus)
	}
}

func groupRequest(id string) engine.IntakeRequest {
	return engine.IntakeRequest{
		ID: id,
		Results: []engine.IntakeResult{
			{ID: id + "-r1", Name: "Shocks", RAGStatus: domain.SeverityAmber},
			{ID: id + "-r2", Name: "Springs", RAGStatus: domain.SeverityRed},
		},
		Items: []engine.IntakeItem{
			{ID: "suspension", Name: "Suspension", Children: []engine.IntakeItem{
				{ID: "shocks", Name: "Shock absorbers", Money: money("40"), Results: []string{id + "-r1"}},
				{ID: "springs", Name: "Springs", Money: money("60"), Results: []string{id + "-r2"}},
			}},
			{ID: "bulb", Name: "Bulb", Money: money("5")},
		},
	}
}

func TestGroupDecisionsDeriveFromChildren(t *testing.T) {
	env := newTestEnv(t)
	env.intake(t, groupRequest("hc-g"))
	env.walk(t, "hc-g", toOpened...)

	_, err := env.Engine.ApplyDecision(env.Ctx, env.scope("hc-g"), engine.Decision{ItemID: "suspension", Outcome: domain.OutcomeAuthorised}, staff)
	var verr engine.ValidationError
	if !errors.As(err, &verr) {
		t.Fatalf("expected validation error deciding a group, got %v", err)
	}
	decide(t, env, "hc-g", "shocks", domain.OutcomeAuthorised)
	decide(t, env, "hc-g", "springs", domain.OutcomeDeclined)
	res := decide(t, env, "hc-g", "bulb", domain.OutcomeDeclined)
	if res.NewStatus == nil || *res.NewStatus != domain.StatusAuthorized {
		t.Fatalf("expected authorized, got %+v", res.NewStatus)
	}
	if res.Summary.Totals.Authorized.Total.StringFixed(2) != "40.00" {
		t.Fatalf("expected only the authorised child counted, got %s", res.Summary.Totals.Authorized.Total)
	}
	if res.Summary.Items[0].Severity != domain.SeverityRed {
		t.Fatalf("expected group severity red, got %q", res.Summary.Items[0].Severity)
	}
}

func TestUngroupPreservesTotals(t *testing.T) {
	env := newTestEnv(t)
	env.intake(t, groupRequest("hc-u"))
	before, _ := env.Engine.Summary(env.Ctx, env.scope("hc-u"))
	groupValue := before.Result.Items[0].Value

	res, err := env.Engine.UngroupRepairGroup(env.Ctx, env.scope("hc-u"), "suspension", staff)
	if err != nil {
		t.Fatalf("ungroup: %v", err)
	}
	if !res.Summary.Totals.Identified.Total.Equal(before.Result.Totals.Identified.Total) {
		t.Fatalf("identified changed: %s -> %s", before.Result.Totals.Identified.Total, res.Summary.Totals.Identified.Total)
	}
	after, _ := env.Engine.Summary(env.Ctx, env.scope("hc-u"))
	sum := decimal.Zero
	for _, it := range res.Summary.Items {
		if it.ID == "shocks" || it.ID == "springs" {
			sum = sum.Add(it.Value)
		}
	}
	if !sum.Equal(groupValue) {
		t.Fatalf("children sum %s != group value %s", sum, groupValue)
	}
	group, _ := after.Aggregate.FindItem("suspension")
	if !group.Deleted() || len(group.Results) != 0 {
		t.Fatalf("expected unpriced group deleted with links removed, got %+v", group)
	}
	shocks, _ := after.Aggregate.FindItem("shocks")
	if shocks.ParentRepairItemID != nil || len(shocks.Results) != 1 {
		t.Fatalf("expected shocks detached with its own link, got %+v", shocks)
	}
	_, err = env.Engine.UngroupRepairGroup(env.Ctx, env.scope("hc-u"), "bulb", staff)
	var verr engine.ValidationError
	if !errors.As(err, &verr) {
		t.Fatalf("expected validation error ungrouping a leaf, got %v", err)
	}
}

func TestRegroupMovesPricingToStandardOption(t *testing.T) {
	env := newTestEnv(t)
	env.intake(t, engine.IntakeRequest{
		ID: "hc-r",
		Items: []engine.IntakeItem{
			{ID: "oil", Name: "Oil change", Money: domain.Money{Labour: decimal.RequireFromString("50"), Parts: decimal.RequireFromString("30")}},
			{ID: "filter", Name: "Air filter", Money: money("24")},
			{ID: "discs", Name: "Discs", Options: []engine.IntakeOption{{Name: "Replace", Money: money("200")}}},
		},
	})
	before, _ := env.Engine.Summary(env.Ctx, env.scope("hc-r"))

	groupID, res, err := env.Engine.CreateGroup(env.Ctx, env.scope("hc-r"), "Service", []string{"oil", "filter"}, staff)
	if err != nil {
		t.Fatalf("create group: %v", err)
	}
	if !res.Summary.Totals.Identified.Total.Equal(before.Result.Totals.Identified.Total) {
		t.Fatalf("identified changed: %s -> %s", before.Result.Totals.Identified.Total, res.Summary.Totals.Identified.Total)
	}
	after, _ := env.Engine.Summary(env.Ctx, env.scope("hc-r"))
	group, ok := after.Aggregate.FindItem(groupID)
	if !ok || len(group.Options) != 1 || group.Options[0].Name != "Standard" {
		t.Fatalf("expected Standard option on group, got %+v", group)
	}
	if group.Options[0].Labour.StringFixed(2) != "50.00" || group.Options[0].TotalIncVAT.StringFixed(2) != "120.00" {
		t.Fatalf("unexpected standard pricing %+v", group.Options[0].Money)
	}
	if len(group.Children) != 2 {
		t.Fatalf("expected 2 children, got %d", len(group.Children))
	}
	for _, c := range group.Children {
		if !c.Money.IsZero() {
			t.Fatalf("child %s kept its pricing", c.ID)
		}
	}

	_, _, err = env.Engine.CreateGroup(env.Ctx, env.scope("hc-r"), "Brakes", []string{"discs"}, staff)
	var verr engine.ValidationError
	if !errors.As(err, &verr) {
		t.Fatalf("expected validation error for member with options, got %v", err)
	}
	_, err = env.Engine.RegroupExistingItems(env.Ctx, env.scope("hc-r"), groupID, []string{groupID}, staff)
	if !errors.As(err, &verr) {
		t.Fatalf("expected validation error for self membership, got %v", err)
	}

	if len(group.Options[0].Lines) != 2 {
		t.Fatalf("expected one pricing line per member, got %+v", group.Options[0].Lines)
	}

	// Ungrouping hands the pricing back, leaving nothing on the group.
	if _, err := env.Engine.UngroupRepairGroup(env.Ctx, env.scope("hc-r"), groupID, staff); err != nil {
		t.Fatalf("ungroup: %v", err)
	}
	final, _ := env.Engine.Summary(env.Ctx, env.scope("hc-r"))
	leftover, _ := final.Aggregate.FindItem(groupID)
	if !leftover.Deleted() {
		t.Fatalf("expected emptied group deleted, got %+v", leftover)
	}
	oil, _ := final.Aggregate.FindItem("oil")
	if oil.Labour.StringFixed(2) != "50.00" || oil.TotalIncVAT.StringFixed(2) != "96.00" {
		t.Fatalf("expected oil pricing restored, got %+v", oil.Money)
	}
	if !final.Result.Totals.Identified.Total.Equal(before.Result.Totals.Identified.Total) {
		t.Fatalf("identified changed after ungroup: %s", final.Result.Totals.Identified.Total)
	}
}

func serviceRequest(id string) engine.IntakeRequest {
	return engine.IntakeRequest{
		ID: id,
		Items: []engine.IntakeItem{
			{ID: "oil", Name: "Oil change", Money: domain.Money{Labour: decimal.RequireFromString("50"), Parts: decimal.RequireFromString("30")}},
			{ID: "filter", Name: "Air filter", Money: money("24")},
		},
	}
}

type bucketTotals struct{ authorized, declined, pending string }

func (env *testEnv) buckets(t *testing.T, id string) (bucketTotals, domain.HealthCheck) {
	t.Helper()
	s, err := env.Engine.Summary(env.Ctx, env.scope(id))
	if err != nil {
		t.Fatalf("summary: %v", err)
	}
	tot := s.Result.Totals
	return bucketTotals{tot.Authorized.Total.StringFixed(2), tot.Declined.Total.StringFixed(2), tot.Pending.Total.StringFixed(2)}, s.Aggregate.HealthCheck
}

func TestGroupedMembersKeepTheirOwnBuckets(t *testing.T) {
	env := newTestEnv(t)
	env.intake(t, serviceRequest("hc-m"))
	groupID, _, err := env.Engine.CreateGroup(env.Ctx, env.scope("hc-m"), "Service", []string{"oil", "filter"}, staff)
	if err != nil {
		t.Fatalf("create group: %v", err)
	}
	env.walk(t, "hc-m", toOpened...)
	decide(t, env, "hc-m", "oil", domain.OutcomeAuthorised)
	res := decide(t, env, "hc-m", "filter", domain.OutcomeDeclined)
	if res.NewStatus == nil || *res.NewStatus != domain.StatusAuthorized {
		t.Fatalf("expected authorized, got %+v", res.NewStatus)
	}
	want := bucketTotals{authorized: "96.00", declined: "24.00", pending: "0.00"}
	got, hc := env.buckets(t, "hc-m")
	if got != want {
		t.Fatalf("expected %+v, got %+v", want, got)
	}
	if hc.TotalAuthorized.StringFixed(2) != "96.00" || hc.TotalDeclined.StringFixed(2) != "24.00" {
		t.Fatalf("unexpected persisted totals %s/%s", hc.TotalAuthorized, hc.TotalDeclined)
	}

	if _, err := env.Engine.UngroupRepairGroup(env.Ctx, env.scope("hc-m"), groupID, staff); err != nil {
		t.Fatalf("ungroup: %v", err)
	}
	got, hc = env.buckets(t, "hc-m")
	if got != want {
		t.Fatalf("totals changed across ungroup: expected %+v, got %+v", want, got)
	}
	if hc.Status != domain.StatusAuthorized || hc.TotalAuthorized.StringFixed(2) != "96.00" {
		t.Fatalf("expected authorized with 96.00 persisted, got %s %s", hc.Status, hc.TotalAuthorized)
	}
	if n := env.historyTo(t, "hc-m", domain.StatusAuthorized); n != 1 {
		t.Fatalf("expected one authorized row, got %d", n)
	}
}

func TestUngroupWithPendingMemberKeepsPartialResponse(t *testing.T) {
	env := newTestEnv(t)
	env.intake(t, serviceRequest("hc-pm"))
	groupID, _, err := env.Engine.CreateGroup(env.Ctx, env.scope("hc-pm"), "Service", []string{"oil", "filter"}, staff)
	if err != nil {
		t.Fatalf("create group: %v", err)
	}
	env.walk(t, "hc-pm", toOpened...)
	decide(t, env, "hc-pm", "filter", domain.OutcomeDeclined)
	want := bucketTotals{authorized: "0.00", declined: "24.00", pending: "96.00"}
	if got, hc := env.buckets(t, "hc-pm"); got != want || hc.Status != domain.StatusPartialResponse {
		t.Fatalf("expected %+v in partial_response, got %+v in %s", want, got, hc.Status)
	}
	res, err := env.Engine.UngroupRepairGroup(env.Ctx, env.scope("hc-pm"), groupID, staff)
	if err != nil {
		t.Fatalf("ungroup: %v", err)
	}
	if res.NewStatus != nil {
		t.Fatalf("expected no transition, got %s", *res.NewStatus)
	}
	if got, hc := env.buckets(t, "hc-pm"); got != want || hc.Status != domain.StatusPartialResponse {
		t.Fatalf("expected %+v in partial_response after ungroup, got %+v in %s", want, got, hc.Status)
	}
}

func TestUngroupedPricedGroupInheritsChildOutcome(t *testing.T) {
	env := newTestEnv(t)
	req := serviceRequest("hc-l")
	req.Items = append(req.Items, engine.IntakeItem{ID: "service", Name: "Service", Group: true, Money: money("50")})
	env.intake(t, req)
	if _, err := env.Engine.RegroupExistingItems(env.Ctx, env.scope("hc-l"), "service", []string{"oil", "filter"}, staff); err != nil {
		t.Fatalf("regroup: %v", err)
	}
	env.walk(t, "hc-l", toOpened...)
	decide(t, env, "hc-l", "oil", domain.OutcomeAuthorised)
	decide(t, env, "hc-l", "filter", domain.OutcomeDeclined)
	// The group's own 50.00 follows its derived outcome.
	want := bucketTotals{authorized: "146.00", declined: "24.00", pending: "0.00"}
	if got, hc := env.buckets(t, "hc-l"); got != want || hc.Status != domain.StatusAuthorized {
		t.Fatalf("expected %+v in authorized, got %+v in %s", want, got, hc.Status)
	}

	if _, err := env.Engine.UngroupRepairGroup(env.Ctx, env.scope("hc-l"), "service", staff); err != nil {
		t.Fatalf("ungroup: %v", err)
	}
	got, hc := env.buckets(t, "hc-l")
	if got != want || hc.Status != domain.StatusAuthorized {
		t.Fatalf("expected %+v in authorized after ungroup, got %+v in %s", want, got, hc.Status)
	}
	s, _ := env.Engine.Summary(env.Ctx, env.scope("hc-l"))
	leaf, _ := s.Aggregate.FindItem("service")
	if leaf.IsGroup || leaf.Deleted() || leaf.OutcomeStatus != domain.OutcomeAuthorised {
		t.Fatalf("expected authorised leaf, got %+v", leaf)
	}
	if len(leaf.Options) != 1 || leaf.SelectedOptionID == nil || *leaf.SelectedOptionID != leaf.Options[0].ID {
		t.Fatalf("expected remaining option selected, got %+v", leaf)
	}
	if leaf.Options[0].TotalIncVAT.StringFixed(2) != "50.00" || len(leaf.Options[0].Lines) != 0 {
		t.Fatalf("expected 50.00 left on the option, got %+v", leaf.Options[0])
	}
	if leaf.DecisionSource == nil || *leaf.DecisionSource != domain.SourceUser || leaf.DecidedBy == nil || *leaf.DecidedBy != staff.ID {
		t.Fatalf("expected decision stamped by %s, got %+v", staff.ID, leaf)
	}
}

func TestIntakeRejectsFindingsOnGroups(t *testing.T) {
	env := newTestEnv(t)
	req := groupRequest("hc-gf")
	req.Items[0].Results = []string{"hc-gf-r1"}
	_, err := env.Engine.Intake(env.Ctx, req, staff)
	var verr engine.ValidationError
	if !errors.As(err, &verr) || verr.Field != "items[0].results" {
		t.Fatalf("expected items[0].results validation error, got %v", err)
	}
}

func TestDeleteRejectsAuthorisedItems(t *testing.T) {
	env := newTestEnv(t)
	env.intake(t, groupRequest("hc-d"))
	decide(t, env, "hc-d", "shocks", domain.OutcomeAuthorised)

	var verr engine.ValidationError
	_, err := env.Engine.DeleteRepairItem(env.Ctx, env.scope("hc-d"), "shocks", staff)
	if !errors.As(err, &verr) {
		t.Fatalf("expected validation error deleting authorised item, got %v", err)
	}
	_, err = env.Engine.DeleteRepairItem(env.Ctx, env.scope("hc-d"), "suspension", staff)
	if !errors.As(err, &verr) {
		t.Fatalf("expected validation error deleting group with authorised child, got %v", err)
	}
	res, err := env.Engine.DeleteRepairItem(env.Ctx, env.scope("hc-d"), "bulb", staff)
	if err != nil {
		t.Fatalf("delete bulb: %v", err)
	}
	if res.Summary.Totals.Identified.Total.StringFixed(2) != "100.00" {
		t.Fatalf("expected deleted item excluded, got %s", res.Summary.Totals.Identified.Total)
	}
	_, err = env.Engine.DeleteRepairItem(env.Ctx, env.scope("hc-d"), "bulb", staff)
	var nf engine.NotFoundError
	if !errors.As(err, &nf) {
		t.Fatalf("expected not found for deleted item, got %v", err)
	}
	_, err = env.Engine.ApplyDecision(env.Ctx, env.scope("hc-d"), engine.Decision{ItemID: "bulb", Outcome: domain.OutcomeDeclined}, staff)
	if !errors.As(err, &nf) {
		t.Fatalf("expected not found deciding a deleted item, got %v", err)
	}
}

func TestBulkSelectsRecommendedOption(t *testing.T) {
	env := newTestEnv(t)
	env.intake(t, optionRequest("hc-bulk"))
	res, err := env.Engine.ApplyBulkDecision(env.Ctx, env.scope("hc-bulk"), []string{"discs"}, domain.OutcomeAuthorised, staff, "")
	if err != nil {
		t.Fatalf("bulk: %v", err)
	}
	s, _ := env.Engine.Summary(env.Ctx, env.scope("hc-bulk"))
	discs, _ := s.Aggregate.FindItem("discs")
	if discs.SelectedOptionID == nil || *discs.SelectedOptionID != "discs-replace" {
		t.Fatalf("expected recommended option selected, got %v", discs.SelectedOptionID)
	}
	if res.Summary.Totals.Authorized.Total.StringFixed(2) != "310.00" {
		t.Fatalf("unexpected authorised total %s", res.Summary.Totals.Authorized.Total)
	}
	_, err = env.Engine.ApplyBulkDecision(env.Ctx, env.scope("hc-bulk"), nil, domain.OutcomeDeclined, staff, "")
	var verr engine.ValidationError
	if !errors.As(err, &verr) {
		t.Fatalf("expected validation error for empty bulk, got %v", err)
	}
	_, err = env.Engine.ApplyBulkDecision(env.Ctx, env.scope("hc-bulk"), []string{"discs", "nope"}, domain.OutcomeDeclined, staff, "")
	var nf engine.NotFoundError
	if !errors.As(err, &nf) {
		t.Fatalf("expected not found for unknown item, got %v", err)
	}
	s, _ = env.Engine.Summary(env.Ctx, env.scope("hc-bulk"))
	discs, _ = s.Aggregate.FindItem("discs")
	if discs.OutcomeStatus != domain.OutcomeAuthorised {
		t.Fatalf("failed bulk must not change items, got %s", discs.OutcomeStatus)
	}
}

func TestTenantScoping(t *testing.T) {
	env := newTestEnv(t)
	env.intake(t, threeItems("hc-t"))
	other := engine.Scope{HealthCheckID: "hc-t", OrganizationID: "someone-else"}
	_, err := env.Engine.ApplyDecision(env.Ctx, other, engine.Decision{ItemID: "brakes", Outcome: domain.OutcomeDeclined}, staff)
	var nf engine.NotFoundError
	if !errors.As(err, &nf) {
		t.Fatalf("expected not found across organizations, got %v", err)
	}
	if _, err := env.Engine.History(env.Ctx, other); !errors.As(err, &nf) {
		t.Fatalf("expected not found for history, got %v", err)
	}
}

func TestAdvisorAuthorization(t *testing.T) {
	env := newTestEnv(t)
	env.intake(t, threeItems("hc-adv"))
	env.walk(t, "hc-adv", domain.StatusAssigned, domain.StatusInProgress)
	ds := []engine.Decision{{ItemID: "brakes", Outcome: domain.OutcomeAuthorised}}
	_, err := env.Engine.RecordAdvisorAuthorization(env.Ctx, env.scope("hc-adv"), ds, staff)
	var serr engine.InvalidStatusError
	if !errors.As(err, &serr) || serr.Status != domain.StatusInProgress {
		t.Fatalf("expected invalid status from in_progress, got %v", err)
	}
	env.walk(t, "hc-adv", domain.StatusTechCompleted, domain.StatusAwaitingReview, domain.StatusReadyToSend)
	if _, err := env.Engine.RecordAdvisorAuthorization(env.Ctx, env.scope("hc-adv"), ds, staff); err != nil {
		t.Fatalf("advisor authorization: %v", err)
	}
	s, _ := env.Engine.Summary(env.Ctx, env.scope("hc-adv"))
	if s.Aggregate.HealthCheck.AdvisorReviewedAt == nil {
		t.Fatalf("expected advisor review stamp")
	}
	brakes, _ := s.Aggregate.FindItem("brakes")
	if brakes.OutcomeStatus != domain.OutcomeAuthorised || brakes.DecisionSource == nil || *brakes.DecisionSource != domain.SourceUser {
		t.Fatalf("unexpected decision %+v", brakes)
	}
}

func TestStaffTransitions(t *testing.T) {
	env := newTestEnv(t)
	env.intake(t, threeItems("hc-s"))
	_, err := env.Engine.Transition(env.Ctx, env.scope("hc-s"), domain.StatusSent, staff, "")
	var serr engine.InvalidStatusError
	if !errors.As(err, &serr) || len(serr.Allowed) != 2 {
		t.Fatalf("expected invalid status with allowed list, got %v", err)
	}
	_, err = env.Engine.Transition(env.Ctx, env.scope("hc-s"), domain.StatusAuthorized, staff, "")
	var verr engine.ValidationError
	if !errors.As(err, &verr) {
		t.Fatalf("expected derived status rejection, got %v", err)
	}
	env.walk(t, "hc-s", toSent...)
	s, _ := env.Engine.Summary(env.Ctx, env.scope("hc-s"))
	hc := s.Aggregate.HealthCheck
	if hc.TechStartedAt == nil || hc.TechCompletedAt == nil || hc.SentAt == nil {
		t.Fatalf("expected lifecycle stamps, got %+v", hc)
	}
}

func TestPortalFlow(t *testing.T) {
	env := newTestEnv(t)
	agg := env.intake(t, threeItems("hc-portal"))
	token := agg.HealthCheck.AccessToken
	env.walk(t, "hc-portal", toSent...)

	view, err := env.Engine.RecordPortalView(env.Ctx, token)
	if err != nil {
		t.Fatalf("portal view: %v", err)
	}
	if view.Aggregate.HealthCheck.Status != domain.StatusOpened {
		t.Fatalf("expected opened, got %s", view.Aggregate.HealthCheck.Status)
	}
	if _, err := env.Engine.RecordPortalView(env.Ctx, token); err != nil {
		t.Fatalf("second view: %v", err)
	}
	if env.historyTo(t, "hc-portal", domain.StatusOpened) != 1 {
		t.Fatalf("expected a single opened row")
	}

	if _, err := env.Engine.PortalDecide(env.Ctx, token, engine.Decision{ItemID: "tyres", Outcome: domain.OutcomeDeclined}); err != nil {
		t.Fatalf("portal decide: %v", err)
	}
	res, err := env.Engine.PortalDecideAll(env.Ctx, token, domain.OutcomeAuthorised)
	if err != nil {
		t.Fatalf("portal approve all: %v", err)
	}
	if res.NewStatus == nil || *res.NewStatus != domain.StatusAuthorized {
		t.Fatalf("expected authorized, got %+v", res.NewStatus)
	}
	s, _ := env.Engine.Summary(env.Ctx, env.scope("hc-portal"))
	tyres, _ := s.Aggregate.FindItem("tyres")
	if tyres.OutcomeStatus != domain.OutcomeDeclined {
		t.Fatalf("approve all must leave decided items alone, got %s", tyres.OutcomeStatus)
	}
	if approved := tyres.CustomerApproved(); approved == nil || *approved {
		t.Fatalf("expected customerApproved=false")
	}
	_, err = env.Engine.PortalDecide(env.Ctx, token, engine.Decision{ItemID: "tyres", Outcome: domain.OutcomeAuthorised})
	var serr engine.InvalidStatusError
	if !errors.As(err, &serr) {
		t.Fatalf("expected invalid status after authorization, got %v", err)
	}
	if _, err := env.Engine.RecordPortalView(env.Ctx, "bogus"); !isNotFound(err) {
		t.Fatalf("expected not found for unknown token, got %v", err)
	}
}

func isNotFound(err error) bool {
	var nf engine.NotFoundError
	return errors.As(err, &nf)
}

func TestPortalLinkExpiry(t *testing.T) {
	env := newTestEnv(t)
	agg := env.intake(t, threeItems("hc-exp"))
	env.walk(t, "hc-exp", toSent...)

	env.setNow(t0.Add(73 * time.Hour))
	_, err := env.Engine.RecordPortalView(env.Ctx, agg.HealthCheck.AccessToken)
	if !engine.IsLinkExpired(err) {
		t.Fatalf("expected expired link, got %v", err)
	}
	if got := env.status(t, "hc-exp"); got != domain.StatusExpired {
		t.Fatalf("expected expired status, got %s", got)
	}
	token, err := env.Engine.RotateAccessLink(env.Ctx, env.scope("hc-exp"))
	if err != nil || token == agg.HealthCheck.AccessToken {
		t.Fatalf("rotate: %q %v", token, err)
	}
	if _, err := env.Engine.RecordPortalView(env.Ctx, token); !engine.IsLinkExpired(err) {
		t.Fatalf("an expired check stays closed to the portal, got %v", err)
	}
}

func TestConcurrentDecisions(t *testing.T) {
	env := newTestEnv(t)
	req := engine.IntakeRequest{ID: "hc-conc"}
	for i := 0; i < 8; i++ {
		req.Items = append(req.Items, engine.IntakeItem{ID: fmt.Sprintf("item-%d", i), Name: fmt.Sprintf("Item %d", i), Money: money("10")})
	}
	env.intake(t, req)
	env.walk(t, "hc-conc", toOpened...)

	var wg sync.WaitGroup
	errs := make(chan error, len(req.Items))
	for _, it := range req.Items {
		wg.Add(1)
		go func(id string) {
			defer wg.Done()
			_, err := env.Engine.ApplyDecision(env.Ctx, env.scope("hc-conc"), engine.Decision{ItemID: id, Outcome: domain.OutcomeAuthorised}, staff)
			errs <- err
		}(it.ID)
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		if err != nil {
			t.Fatalf("concurrent decision: %v", err)
		}
	}
	if got := env.status(t, "hc-conc"); got != domain.StatusAuthorized {
		t.Fatalf("expected authorized, got %s", got)
	}
	if n := env.historyTo(t, "hc-conc", domain.StatusPartialResponse); n != 1 {
		t.Fatalf("expected one partial_response row, got %d", n)
	}
	if n := env.historyTo(t, "hc-conc", domain.StatusAuthorized); n != 1 {
		t.Fatalf("expected one authorized row, got %d", n)
	}
	s, _ := env.Engine.Summary(env.Ctx, env.scope("hc-conc"))
	if s.Aggregate.HealthCheck.TotalAuthorized.StringFixed(2) != "80.00" {
		t.Fatalf("expected persisted authorised total 80.00, got %s", s.Aggregate.HealthCheck.TotalAuthorized)
	}
}

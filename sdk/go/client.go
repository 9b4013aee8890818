package repairlinesdk

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/go-resty/resty/v2"
)

// Client is a minimal Repairline HTTP API client.
type Client struct {
	BaseURL     string
	BasePath    string
	BearerToken string
	// ActorID and OrgID are sent as legacy headers when no token is set.
	ActorID string
	OrgID   string
	Timeout time.Duration

	http *resty.Client
}

// New creates a client with sane defaults.
func New(baseURL string) *Client {
	return &Client{
		BaseURL:  baseURL,
		BasePath: "v1",
		Timeout:  10 * time.Second,
	}
}

// Money amounts are decimal strings with two places.
type Money struct {
	Labour      string `json:"labour,omitempty"`
	Parts       string `json:"parts,omitempty"`
	Subtotal    string `json:"subtotal,omitempty"`
	VAT         string `json:"vat,omitempty"`
	TotalIncVAT string `json:"total_inc_vat,omitempty"`
}

// HealthCheck is the API health check model (partial).
type HealthCheck struct {
	ID              string  `json:"id"`
	OrganizationID  string  `json:"organization_id"`
	VehicleReg      string  `json:"vehicle_reg,omitempty"`
	Status          string  `json:"status"`
	RedCount        int     `json:"red_count"`
	AmberCount      int     `json:"amber_count"`
	GreenCount      int     `json:"green_count"`
	TotalIdentified string  `json:"total_identified"`
	TotalAuthorized string  `json:"total_authorized"`
	TotalDeclined   string  `json:"total_declined"`
	TotalDeferred   string  `json:"total_deferred"`
	AccessExpiresAt *string `json:"access_expires_at,omitempty"`
	CreatedAt       string  `json:"created_at"`
	UpdatedAt       string  `json:"updated_at"`
}

type Option struct {
	ID          string `json:"id"`
	Name        string `json:"name"`
	Recommended bool   `json:"recommended"`
	Money       Money  `json:"money"`
}

// Item is a repair item or group as rendered by the API.
type Item struct {
	ID               string   `json:"id"`
	Name             string   `json:"name"`
	IsGroup          bool     `json:"is_group"`
	Severity         string   `json:"severity,omitempty"`
	Outcome          string   `json:"outcome"`
	CustomerApproved *bool    `json:"customer_approved"`
	Value            string   `json:"value"`
	Money            Money    `json:"money"`
	SelectedOptionID *string  `json:"selected_option_id,omitempty"`
	Deleted          bool     `json:"deleted,omitempty"`
	Options          []Option `json:"options"`
	Children         []Item   `json:"children"`
}

type Bucket struct {
	Count int    `json:"count"`
	Total string `json:"total"`
	Red   string `json:"red"`
	Amber string `json:"amber"`
	Green string `json:"green"`
}

type Totals struct {
	Identified Bucket `json:"identified"`
	Authorized Bucket `json:"authorized"`
	Declined   Bucket `json:"declined"`
	Deferred   Bucket `json:"deferred"`
	Pending    Bucket `json:"pending"`
}

// Summary is a health check with its items and totals.
type Summary struct {
	HealthCheck     HealthCheck `json:"health_check"`
	Items           []Item      `json:"items"`
	Totals          Totals      `json:"totals"`
	AllHaveOutcomes bool        `json:"all_have_outcomes"`
	ImpliedStatus   string      `json:"implied_status,omitempty"`
}

// RecomputeResult reports the status change a mutation caused, if any.
type RecomputeResult struct {
	PreviousStatus string  `json:"previous_status"`
	NewStatus      *string `json:"new_status"`
	ImpliedStatus  string  `json:"implied_status,omitempty"`
	Totals         Totals  `json:"totals"`
}

type HistoryEntry struct {
	ID           int64  `json:"id"`
	FromStatus   string `json:"from_status"`
	ToStatus     string `json:"to_status"`
	ChangedBy    string `json:"changed_by"`
	ChangeSource string `json:"change_source"`
	Notes        string `json:"notes,omitempty"`
	CreatedAt    string `json:"created_at"`
}

type AccessLink struct {
	Token     string  `json:"token"`
	ExpiresAt *string `json:"expires_at,omitempty"`
}

// Decision is one item decision.
type Decision struct {
	ItemID           string `json:"item_id"`
	Outcome          string `json:"outcome"`
	SelectedOptionID string `json:"selected_option_id,omitempty"`
	Reason           string `json:"reason,omitempty"`
	Notes            string `json:"notes,omitempty"`
}

// IntakeResult is a technician finding.
type IntakeResult struct {
	ID        string `json:"id" yaml:"id"`
	Name      string `json:"name" yaml:"name"`
	RAGStatus string `json:"rag_status,omitempty" yaml:"rag_status"`
	Notes     string `json:"notes,omitempty" yaml:"notes"`
}

type IntakeOption struct {
	ID          string `json:"id,omitempty" yaml:"id"`
	Name        string `json:"name" yaml:"name"`
	Recommended bool   `json:"recommended,omitempty" yaml:"recommended"`
	Money       Money  `json:"money,omitempty" yaml:"money"`
}

type IntakeItem struct {
	ID          string         `json:"id,omitempty" yaml:"id"`
	Name        string         `json:"name" yaml:"name"`
	Description string         `json:"description,omitempty" yaml:"description"`
	RAGStatus   string         `json:"rag_status,omitempty" yaml:"rag_status"`
	Group       bool           `json:"group,omitempty" yaml:"group"`
	Money       Money          `json:"money,omitempty" yaml:"money"`
	Options     []IntakeOption `json:"options,omitempty" yaml:"options"`
	Results     []string       `json:"results,omitempty" yaml:"results"`
	Children    []IntakeItem   `json:"children,omitempty" yaml:"children"`
}

// Intake is the document a health check is created from.
type Intake struct {
	ID         string         `json:"id,omitempty" yaml:"id"`
	SiteID     string         `json:"site_id,omitempty" yaml:"site_id"`
	VehicleReg string         `json:"vehicle_reg,omitempty" yaml:"vehicle_reg"`
	Results    []IntakeResult `json:"results,omitempty" yaml:"results"`
	Items      []IntakeItem   `json:"items,omitempty" yaml:"items"`
}

// APIError wraps non-2xx responses.
type APIError struct {
	StatusCode int
	Code       string
	Message    string
	Details    map[string]any
}

func (e *APIError) Error() string {
	return fmt.Sprintf("api error: status=%d code=%s message=%s", e.StatusCode, e.Code, e.Message)
}

type errorEnvelope struct {
	Error struct {
		Code    string         `json:"code"`
		Message string         `json:"message"`
		Details map[string]any `json:"details"`
	} `json:"error"`
}

// CreateHealthCheck runs intake.
func (c *Client) CreateHealthCheck(ctx context.Context, in Intake) (Summary, error) {
	var resp Summary
	err := c.do(ctx, http.MethodPost, "health-checks", in, &resp)
	return resp, err
}

// ListHealthChecks lists health checks, optionally by status.
func (c *Client) ListHealthChecks(ctx context.Context, status string, limit int) ([]HealthCheck, error) {
	q := url.Values{}
	if status != "" {
		q.Set("status", status)
	}
	if limit > 0 {
		q.Set("limit", fmt.Sprint(limit))
	}
	endpoint := "health-checks"
	if len(q) > 0 {
		endpoint += "?" + q.Encode()
	}
	var resp []HealthCheck
	err := c.do(ctx, http.MethodGet, endpoint, nil, &resp)
	return resp, err
}

func (c *Client) GetHealthCheck(ctx context.Context, id string) (Summary, error) {
	var resp Summary
	err := c.do(ctx, http.MethodGet, checkPath(id, ""), nil, &resp)
	return resp, err
}

func (c *Client) History(ctx context.Context, id string) ([]HistoryEntry, error) {
	var resp []HistoryEntry
	err := c.do(ctx, http.MethodGet, checkPath(id, "history"), nil, &resp)
	return resp, err
}

// Transition moves a health check to status.
func (c *Client) Transition(ctx context.Context, id, status, notes string) (HealthCheck, error) {
	var resp HealthCheck
	err := c.do(ctx, http.MethodPost, checkPath(id, "transitions"), map[string]any{"status": status, "notes": notes}, &resp)
	return resp, err
}

func (c *Client) MarkArrived(ctx context.Context, id string) (HealthCheck, error) {
	var resp HealthCheck
	err := c.do(ctx, http.MethodPost, checkPath(id, "arrival"), nil, &resp)
	return resp, err
}

func (c *Client) Recompute(ctx context.Context, id string) (RecomputeResult, error) {
	var resp RecomputeResult
	err := c.do(ctx, http.MethodPost, checkPath(id, "recompute"), nil, &resp)
	return resp, err
}

func (c *Client) Decide(ctx context.Context, id string, d Decision) (RecomputeResult, error) {
	var resp RecomputeResult
	err := c.do(ctx, http.MethodPost, checkPath(id, "decisions"), d, &resp)
	return resp, err
}

// DecideBulk applies outcome to each of itemIDs.
func (c *Client) DecideBulk(ctx context.Context, id string, itemIDs []string, outcome, reason string) (RecomputeResult, error) {
	body := map[string]any{"item_ids": itemIDs, "outcome": outcome, "reason": reason}
	var resp RecomputeResult
	err := c.do(ctx, http.MethodPost, checkPath(id, "decisions/bulk"), body, &resp)
	return resp, err
}

// DecideAll applies outcome to every pending item.
func (c *Client) DecideAll(ctx context.Context, id, outcome string) (RecomputeResult, error) {
	var resp RecomputeResult
	err := c.do(ctx, http.MethodPost, checkPath(id, "decisions/all"), map[string]any{"outcome": outcome}, &resp)
	return resp, err
}

func (c *Client) AdvisorAuthorize(ctx context.Context, id string, ds []Decision) (RecomputeResult, error) {
	var resp RecomputeResult
	err := c.do(ctx, http.MethodPost, checkPath(id, "advisor-authorization"), map[string]any{"decisions": ds}, &resp)
	return resp, err
}

// CreateGroup groups memberIDs and returns the new group id.
func (c *Client) CreateGroup(ctx context.Context, id, name string, memberIDs []string) (string, RecomputeResult, error) {
	var resp struct {
		GroupID string          `json:"group_id"`
		Result  RecomputeResult `json:"result"`
	}
	err := c.do(ctx, http.MethodPost, checkPath(id, "groups"), map[string]any{"name": name, "member_ids": memberIDs}, &resp)
	return resp.GroupID, resp.Result, err
}

func (c *Client) Regroup(ctx context.Context, id, groupID string, memberIDs []string) (RecomputeResult, error) {
	var resp RecomputeResult
	endpoint := checkPath(id, "groups/"+url.PathEscape(groupID)+"/members")
	err := c.do(ctx, http.MethodPost, endpoint, map[string]any{"member_ids": memberIDs}, &resp)
	return resp, err
}

func (c *Client) Ungroup(ctx context.Context, id, groupID string) (RecomputeResult, error) {
	var resp RecomputeResult
	err := c.do(ctx, http.MethodDelete, checkPath(id, "groups/"+url.PathEscape(groupID)), nil, &resp)
	return resp, err
}

func (c *Client) DeleteItem(ctx context.Context, id, itemID string) (RecomputeResult, error) {
	var resp RecomputeResult
	err := c.do(ctx, http.MethodDelete, checkPath(id, "items/"+url.PathEscape(itemID)), nil, &resp)
	return resp, err
}

// RotateAccessLink issues a new customer portal token.
func (c *Client) RotateAccessLink(ctx context.Context, id string) (AccessLink, error) {
	var resp AccessLink
	err := c.do(ctx, http.MethodPost, checkPath(id, "access-link"), nil, &resp)
	return resp, err
}

// PortalView opens the customer view for token.
func (c *Client) PortalView(ctx context.Context, token string) (Summary, error) {
	var resp Summary
	err := c.do(ctx, http.MethodGet, "portal/"+url.PathEscape(token), nil, &resp)
	return resp, err
}

func (c *Client) PortalDecide(ctx context.Context, token string, d Decision) (RecomputeResult, error) {
	var resp RecomputeResult
	err := c.do(ctx, http.MethodPost, "portal/"+url.PathEscape(token)+"/decisions", d, &resp)
	return resp, err
}

func (c *Client) PortalDecideAll(ctx context.Context, token, outcome string) (RecomputeResult, error) {
	var resp RecomputeResult
	err := c.do(ctx, http.MethodPost, "portal/"+url.PathEscape(token)+"/decisions/all", map[string]any{"outcome": outcome}, &resp)
	return resp, err
}

func (c *Client) client() *resty.Client {
	if c.http == nil {
		c.http = resty.New().SetTimeout(c.Timeout)
	}
	return c.http
}

func (c *Client) do(ctx context.Context, method, endpoint string, body any, out any) error {
	envelope := &errorEnvelope{}
	req := c.client().R().
		SetContext(ctx).
		SetHeader("Content-Type", "application/json").
		SetError(envelope)
	if body != nil {
		req.SetBody(body)
	}
	if out != nil {
		req.SetResult(out)
	}
	switch {
	case c.BearerToken != "":
		req.SetAuthToken(c.BearerToken)
	case c.ActorID != "":
		req.SetHeader("X-Actor-Id", c.ActorID)
		if c.OrgID != "" {
			req.SetHeader("X-Org-Id", c.OrgID)
		}
	}
	resp, err := req.Execute(method, c.url(endpoint))
	if err != nil {
		return err
	}
	if resp.IsError() {
		apiErr := &APIError{
			StatusCode: resp.StatusCode(),
			Code:       envelope.Error.Code,
			Message:    envelope.Error.Message,
			Details:    envelope.Error.Details,
		}
		if apiErr.Message == "" {
			apiErr.Message = strings.TrimSpace(resp.String())
		}
		return apiErr
	}
	return nil
}

func checkPath(id, sub string) string {
	p := "health-checks/" + url.PathEscape(id)
	if sub != "" {
		p += "/" + sub
	}
	return p
}

func (c *Client) url(endpoint string) string {
	base := strings.TrimRight(c.BaseURL, "/")
	if bp := strings.Trim(c.BasePath, "/"); bp != "" {
		base += "/" + bp
	}
	return base + "/" + strings.TrimLeft(endpoint, "/")
}

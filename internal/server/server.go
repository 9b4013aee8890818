package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"path"
	"strings"

	"github.com/danielgtaylor/huma/v2"
	humachi "github.com/danielgtaylor/huma/v2/adapters/humachi"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"repairline/internal/domain"
	"repairline/internal/engine"
	"repairline/internal/repo"
	"repairline/internal/workflow"
)

// Config for the HTTP API handler.
type Config struct {
	Engine   engine.Engine
	BasePath string
	Auth     AuthConfig
}

type apiErrorBody struct {
	Code    string         `json:"code" example:"invalid_status"`
	Message string         `json:"message" example:"advisor authorization not allowed from status in_progress"`
	Details map[string]any `json:"details,omitempty" jsonschema:"type=object,additionalProperties=true"`
}

// apiError models the required error envelope.
type apiError struct {
	status int
	Body   apiErrorBody `json:"error"`
}

func (e *apiError) GetStatus() int { return e.status }
func (e *apiError) Error() string  { return e.Body.Message }

// New returns an HTTP handler exposing the Repairline API.
func New(cfg Config) (http.Handler, error) {
	basePath := cfg.BasePath
	if basePath == "" {
		basePath = "/v1"
	}
	if !strings.HasPrefix(basePath, "/") {
		basePath = "/" + basePath
	}
	if cfg.Auth.DefaultOrgID == "" && cfg.Engine.Config != nil {
		cfg.Auth.DefaultOrgID = cfg.Engine.Config.Organization.ID
	}
	huma.DefaultArrayNullable = false
	huma.NewError = func(status int, msg string, errs ...error) huma.StatusError {
		return newAPIError(status, "", msg, nil)
	}
	huma.NewErrorWithContext = func(_ huma.Context, status int, msg string, errs ...error) huma.StatusError {
		if status == http.StatusUnprocessableEntity && strings.Contains(strings.ToLower(msg), "validation") {
			// Schema/request validation errors should be 400 bad_request
			status = http.StatusBadRequest
		}
		var details map[string]any
		if len(errs) > 0 {
			details = map[string]any{"errors": errs}
		}
		return newAPIError(status, "", msg, details)
	}

	router := chi.NewRouter()
	router.Use(middleware.RequestID)
	router.Use(middleware.Recoverer)
	router.Use(newAuthMiddleware(basePath, cfg.Auth))
	hcfg := huma.DefaultConfig("Repairline API", "0.1.0")
	hcfg.OpenAPIPath = "/openapi"
	hcfg.DocsPath = ""
	api := humachi.New(router, hcfg)
	group := huma.NewGroup(api, basePath)

	h := handlers{engine: cfg.Engine}
	registerDocs(router, basePath)
	registerHealth(group)
	registerMe(group)
	registerDevAuth(group, cfg.Auth)
	registerHealthChecks(group, h)
	registerDecisions(group, h)
	registerGrouping(group, h)
	registerPortal(group, h)
	registerOpenAPI(router, api, basePath)

	return router, nil
}

func newAPIError(status int, code, message string, details map[string]any) huma.StatusError {
	if code == "" {
		code = defaultCodeForStatus(status)
	}
	return &apiError{
		status: status,
		Body: apiErrorBody{
			Code:    code,
			Message: message,
			Details: details,
		},
	}
}

func handleError(err error) huma.StatusError {
	if err == nil {
		return nil
	}
	var se huma.StatusError
	if errors.As(err, &se) {
		return se
	}
	var ve engine.ValidationError
	if errors.As(err, &ve) {
		return newAPIError(http.StatusBadRequest, "validation_failed", err.Error(), map[string]any{"field": ve.Field})
	}
	var ise engine.InvalidStatusError
	if errors.As(err, &ise) {
		allowed := make([]string, 0, len(ise.Allowed))
		for _, s := range ise.Allowed {
			allowed = append(allowed, string(s))
		}
		return newAPIError(http.StatusConflict, "invalid_status", err.Error(), map[string]any{"status": string(ise.Status), "allowed": allowed})
	}
	if engine.IsLinkExpired(err) {
		return newAPIError(http.StatusGone, "link_expired", err.Error(), nil)
	}
	var nf engine.NotFoundError
	if errors.As(err, &nf) {
		return newAPIError(http.StatusNotFound, "not_found", err.Error(), map[string]any{"kind": nf.Kind})
	}
	if errors.Is(err, repo.ErrNotFound) {
		return newAPIError(http.StatusNotFound, "not_found", err.Error(), nil)
	}
	return newAPIError(http.StatusInternalServerError, "internal_error", "internal error", map[string]any{"error": err.Error()})
}

func defaultCodeForStatus(status int) string {
	switch status {
	case http.StatusBadRequest:
		return "bad_request"
	case http.StatusUnauthorized:
		return "unauthorized"
	case http.StatusNotFound:
		return "not_found"
	case http.StatusConflict:
		return "conflict"
	case http.StatusGone:
		return "link_expired"
	case http.StatusUnprocessableEntity:
		return "validation_failed"
	case http.StatusInternalServerError:
		return "internal_error"
	default:
		return strings.ToLower(strings.ReplaceAll(http.StatusText(status), " ", "_"))
	}
}

var staffErrors = []int{
	http.StatusBadRequest,
	http.StatusUnauthorized,
	http.StatusNotFound,
	http.StatusConflict,
	http.StatusInternalServerError,
}

func registerDocs(r chi.Router, basePath string) {
	r.Get("/docs", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/html")
		io.WriteString(w, swaggerHTML(basePath))
	})
}

func registerOpenAPI(r chi.Router, api huma.API, basePath string) {
	var doc []byte
	specPath := path.Join(basePath, "openapi.json")
	r.Get(specPath, func(w http.ResponseWriter, r *http.Request) {
		if doc == nil {
			oas := api.OpenAPI()
			ensureDefaultErrorResponses(oas)
			applyAuthSecurity(oas, basePath)
			doc, _ = json.Marshal(oas)
		}
		w.Header().Set("Content-Type", "application/json")
		w.Write(doc)
	})
}

func ensureDefaultErrorResponses(oas *huma.OpenAPI) {
	if oas == nil || oas.Paths == nil {
		return
	}
	for _, item := range oas.Paths {
		for _, op := range []*huma.Operation{
			item.Get, item.Put, item.Post, item.Delete, item.Options, item.Head, item.Patch, item.Trace,
		} {
			if op == nil {
				continue
			}
			if op.Responses == nil {
				op.Responses = map[string]*huma.Response{}
			}
			op.Responses["default"] = &huma.Response{
				Description: "Error",
				Content: map[string]*huma.MediaType{
					"application/json": {
						Schema: &huma.Schema{Ref: "#/components/schemas/ApiError"},
					},
				},
			}
		}
	}
}

func applyAuthSecurity(oas *huma.OpenAPI, basePath string) {
	if oas == nil {
		return
	}
	if oas.Components == nil {
		oas.Components = &huma.Components{}
	}
	if oas.Components.SecuritySchemes == nil {
		oas.Components.SecuritySchemes = map[string]*huma.SecurityScheme{}
	}
	oas.Components.SecuritySchemes["bearerAuth"] = &huma.SecurityScheme{
		Type:         "http",
		Scheme:       "bearer",
		BearerFormat: "JWT",
	}
	security := []map[string][]string{{"bearerAuth": {}}}
	oas.Security = security
	public := map[string]bool{
		path.Join(basePath, "health"):         true,
		path.Join(basePath, "auth/dev/login"): true,
	}
	portalPrefix := path.Join(basePath, "portal") + "/"
	for route, item := range oas.Paths {
		for _, op := range []*huma.Operation{
			item.Get, item.Put, item.Post, item.Delete, item.Options, item.Head, item.Patch, item.Trace,
		} {
			if op == nil {
				continue
			}
			if public[route] || strings.HasPrefix(route, portalPrefix) {
				op.Security = []map[string][]string{}
				continue
			}
			op.Security = security
		}
	}
}

func swaggerHTML(basePath string) string {
	specURL := path.Join("/", path.Join(basePath, "openapi.json"))
	return fmt.Sprintf(`<!doctype html>
<html lang="en">
  <head>
    <meta charset="utf-8"/>
    <meta name="viewport" content="width=device-width, initial-scale=1"/>
    <title>Repairline API Docs</title>
    <link rel="stylesheet" href="https://unpkg.com/swagger-ui-dist@5/swagger-ui.css" />
  </head>
  <body>
    <div id="swagger-ui"></div>
    <script src="https://unpkg.com/swagger-ui-dist@5/swagger-ui-bundle.js" crossorigin></script>
    <script>
      window.onload = () => {
        SwaggerUIBundle({
          url: '%s',
          dom_id: '#swagger-ui'
        });
      };
    </script>
    <p style="padding: 1rem; font-family: sans-serif; color: #444;">
      Staff routes take Authorization: Bearer &lt;token&gt;. Portal routes are keyed by the access token in the path.
    </p>
  </body>
</html>`, specURL)
}

func registerHealth(api huma.API) {
	huma.Register(api, huma.Operation{
		OperationID: "health",
		Method:      http.MethodGet,
		Path:        "/health",
		Summary:     "Health check",
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body map[string]string `json:"body"`
	}, error) {
		return &struct {
			Body map[string]string `json:"body"`
		}{Body: map[string]string{"status": "ok"}}, nil
	})
}

func registerMe(api huma.API) {
	huma.Register(api, huma.Operation{
		OperationID: "me",
		Method:      http.MethodGet,
		Path:        "/me",
		Summary:     "Current principal",
		Errors:      []int{http.StatusUnauthorized},
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body WhoAmIResponse `json:"body"`
	}, error) {
		p, authErr := principalFromRequest(ctx)
		if authErr != nil {
			return nil, authErr
		}
		return &struct {
			Body WhoAmIResponse `json:"body"`
		}{Body: WhoAmIResponse{ActorID: p.ActorID, OrgID: p.OrgID, Source: p.Source}}, nil
	})
}

func registerDevAuth(api huma.API, authCfg AuthConfig) {
	huma.Register(api, huma.Operation{
		OperationID: "dev-login",
		Method:      http.MethodPost,
		Path:        "/auth/dev/login",
		Summary:     "DEV ONLY: mint a JWT for local testing",
		Errors: []int{
			http.StatusBadRequest,
			http.StatusInternalServerError,
		},
	}, func(ctx context.Context, input *struct {
		Body DevLoginRequest `json:"body"`
	}) (*struct {
		Body DevLoginResponse `json:"body"`
	}, error) {
		actor := strings.TrimSpace(input.Body.ActorID)
		org := strings.TrimSpace(input.Body.OrgID)
		if actor == "" || org == "" {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "actor_id and org_id are required", nil)
		}
		token, err := signDevToken(authCfg.JWTSecret, actor, org)
		if err != nil {
			return nil, newAPIError(http.StatusInternalServerError, "internal_error", err.Error(), nil)
		}
		return &struct {
			Body DevLoginResponse `json:"body"`
		}{Body: DevLoginResponse{Token: token}}, nil
	})
}

// handlers binds the routes to one engine.
type handlers struct {
	engine engine.Engine
}

func (h handlers) aggregator() workflow.Aggregator {
	rate := workflow.DefaultVATRate
	if h.engine.Config != nil {
		rate = h.engine.Config.VATRate()
	}
	return workflow.NewAggregator(rate)
}

// staff resolves the calling principal into an engine actor and scope.
func staff(ctx context.Context, healthCheckID string) (domain.Actor, engine.Scope, huma.StatusError) {
	p, authErr := principalFromRequest(ctx)
	if authErr != nil {
		return domain.Actor{}, engine.Scope{}, authErr
	}
	return domain.Actor{ID: p.ActorID, Source: domain.SourceUser},
		engine.Scope{HealthCheckID: healthCheckID, OrganizationID: p.OrgID}, nil
}

func (h handlers) summary(ctx context.Context, scope engine.Scope) (SummaryResponse, error) {
	s, err := h.engine.Summary(ctx, scope)
	if err != nil {
		return SummaryResponse{}, err
	}
	return summaryResponse(s, h.aggregator()), nil
}

type healthCheckPath struct {
	ID string `path:"id"`
}

type summaryOutput struct {
	Body SummaryResponse `json:"body"`
}

type healthCheckOutput struct {
	Body HealthCheckResponse `json:"body"`
}

type recomputeOutput struct {
	Body RecomputeResponse `json:"body"`
}

func registerHealthChecks(api huma.API, h handlers) {
	huma.Register(api, huma.Operation{
		OperationID:   "create-health-check",
		Method:        http.MethodPost,
		Path:          "/health-checks",
		Summary:       "Create a health check from an intake document",
		DefaultStatus: http.StatusCreated,
		Errors:        staffErrors,
	}, func(ctx context.Context, input *struct {
		Body IntakeRequest `json:"body"`
	}) (*summaryOutput, error) {
		actor, _, authErr := staff(ctx, "")
		if authErr != nil {
			return nil, authErr
		}
		p, _ := principalFromContext(ctx)
		req, err := input.Body.intake(p.OrgID)
		if err != nil {
			return nil, handleError(err)
		}
		agg, err := h.engine.Intake(ctx, req, actor)
		if err != nil {
			return nil, handleError(err)
		}
		out, err := h.summary(ctx, engine.Scope{HealthCheckID: agg.HealthCheck.ID, OrganizationID: agg.HealthCheck.OrganizationID})
		if err != nil {
			return nil, handleError(err)
		}
		return &summaryOutput{Body: out}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-health-checks",
		Method:      http.MethodGet,
		Path:        "/health-checks",
		Summary:     "List health checks",
		Errors:      staffErrors,
	}, func(ctx context.Context, input *struct {
		Status string `query:"status"`
		Limit  int    `query:"limit" minimum:"0" maximum:"500"`
	}) (*struct {
		Body []HealthCheckResponse `json:"body"`
	}, error) {
		p, authErr := principalFromRequest(ctx)
		if authErr != nil {
			return nil, authErr
		}
		items, err := h.engine.List(ctx, p.OrgID, domain.Status(input.Status), input.Limit)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body []HealthCheckResponse `json:"body"`
		}{Body: healthCheckResponses(items)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-health-check",
		Method:      http.MethodGet,
		Path:        "/health-checks/{id}",
		Summary:     "Health check with items and totals",
		Errors:      staffErrors,
	}, func(ctx context.Context, input *healthCheckPath) (*summaryOutput, error) {
		_, scope, authErr := staff(ctx, input.ID)
		if authErr != nil {
			return nil, authErr
		}
		out, err := h.summary(ctx, scope)
		if err != nil {
			return nil, handleError(err)
		}
		return &summaryOutput{Body: out}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "health-check-history",
		Method:      http.MethodGet,
		Path:        "/health-checks/{id}/history",
		Summary:     "Status history",
		Errors:      staffErrors,
	}, func(ctx context.Context, input *healthCheckPath) (*struct {
		Body []HistoryResponse `json:"body"`
	}, error) {
		_, scope, authErr := staff(ctx, input.ID)
		if authErr != nil {
			return nil, authErr
		}
		rows, err := h.engine.History(ctx, scope)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body []HistoryResponse `json:"body"`
		}{Body: historyResponses(rows)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "transition-health-check",
		Method:      http.MethodPost,
		Path:        "/health-checks/{id}/transitions",
		Summary:     "Move a health check along the status graph",
		Errors:      staffErrors,
	}, func(ctx context.Context, input *struct {
		ID   string            `path:"id"`
		Body TransitionRequest `json:"body"`
	}) (*healthCheckOutput, error) {
		actor, scope, authErr := staff(ctx, input.ID)
		if authErr != nil {
			return nil, authErr
		}
		hc, err := h.engine.Transition(ctx, scope, domain.Status(input.Body.Status), actor, input.Body.Notes)
		if err != nil {
			return nil, handleError(err)
		}
		return &healthCheckOutput{Body: healthCheckResponse(hc)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "mark-arrived",
		Method:      http.MethodPost,
		Path:        "/health-checks/{id}/arrival",
		Summary:     "Record vehicle arrival",
		Errors:      staffErrors,
	}, func(ctx context.Context, input *healthCheckPath) (*healthCheckOutput, error) {
		actor, scope, authErr := staff(ctx, input.ID)
		if authErr != nil {
			return nil, authErr
		}
		hc, err := h.engine.MarkArrived(ctx, scope, actor)
		if err != nil {
			return nil, handleError(err)
		}
		return &healthCheckOutput{Body: healthCheckResponse(hc)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "recompute-health-check",
		Method:      http.MethodPost,
		Path:        "/health-checks/{id}/recompute",
		Summary:     "Recompute totals and derived status",
		Errors:      staffErrors,
	}, func(ctx context.Context, input *healthCheckPath) (*recomputeOutput, error) {
		actor, scope, authErr := staff(ctx, input.ID)
		if authErr != nil {
			return nil, authErr
		}
		res, err := h.engine.RecomputeAndMaybeTransition(ctx, scope, actor)
		if err != nil {
			return nil, handleError(err)
		}
		return &recomputeOutput{Body: recomputeResponse(res)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "rotate-access-link",
		Method:      http.MethodPost,
		Path:        "/health-checks/{id}/access-link",
		Summary:     "Issue a fresh customer portal link",
		Errors:      staffErrors,
	}, func(ctx context.Context, input *healthCheckPath) (*struct {
		Body AccessLinkResponse `json:"body"`
	}, error) {
		_, scope, authErr := staff(ctx, input.ID)
		if authErr != nil {
			return nil, authErr
		}
		token, err := h.engine.RotateAccessLink(ctx, scope)
		if err != nil {
			return nil, handleError(err)
		}
		s, err := h.engine.Summary(ctx, scope)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body AccessLinkResponse `json:"body"`
		}{Body: AccessLinkResponse{Token: token, ExpiresAt: s.Aggregate.HealthCheck.AccessExpiresAt}}, nil
	})
}

func registerDecisions(api huma.API, h handlers) {
	huma.Register(api, huma.Operation{
		OperationID: "apply-decision",
		Method:      http.MethodPost,
		Path:        "/health-checks/{id}/decisions",
		Summary:     "Record a decision on one repair item",
		Errors:      staffErrors,
	}, func(ctx context.Context, input *struct {
		ID   string          `path:"id"`
		Body DecisionRequest `json:"body"`
	}) (*recomputeOutput, error) {
		actor, scope, authErr := staff(ctx, input.ID)
		if authErr != nil {
			return nil, authErr
		}
		res, err := h.engine.ApplyDecision(ctx, scope, input.Body.decision(), actor)
		if err != nil {
			return nil, handleError(err)
		}
		return &recomputeOutput{Body: recomputeResponse(res)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "apply-bulk-decision",
		Method:      http.MethodPost,
		Path:        "/health-checks/{id}/decisions/bulk",
		Summary:     "Apply one decision to several items",
		Errors:      staffErrors,
	}, func(ctx context.Context, input *struct {
		ID   string              `path:"id"`
		Body BulkDecisionRequest `json:"body"`
	}) (*recomputeOutput, error) {
		actor, scope, authErr := staff(ctx, input.ID)
		if authErr != nil {
			return nil, authErr
		}
		res, err := h.engine.ApplyBulkDecision(ctx, scope, input.Body.ItemIDs, domain.Outcome(input.Body.Outcome), actor, input.Body.Reason)
		if err != nil {
			return nil, handleError(err)
		}
		return &recomputeOutput{Body: recomputeResponse(res)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "decide-all-pending",
		Method:      http.MethodPost,
		Path:        "/health-checks/{id}/decisions/all",
		Summary:     "Apply one decision to every pending item",
		Errors:      staffErrors,
	}, func(ctx context.Context, input *struct {
		ID   string           `path:"id"`
		Body DecideAllRequest `json:"body"`
	}) (*recomputeOutput, error) {
		actor, scope, authErr := staff(ctx, input.ID)
		if authErr != nil {
			return nil, authErr
		}
		res, err := h.engine.DecideAllPending(ctx, scope, domain.Outcome(input.Body.Outcome), actor)
		if err != nil {
			return nil, handleError(err)
		}
		return &recomputeOutput{Body: recomputeResponse(res)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "advisor-authorization",
		Method:      http.MethodPost,
		Path:        "/health-checks/{id}/advisor-authorization",
		Summary:     "Record decisions the customer gave in person",
		Errors:      staffErrors,
	}, func(ctx context.Context, input *struct {
		ID   string                      `path:"id"`
		Body AdvisorAuthorizationRequest `json:"body"`
	}) (*recomputeOutput, error) {
		actor, scope, authErr := staff(ctx, input.ID)
		if authErr != nil {
			return nil, authErr
		}
		ds := make([]engine.Decision, 0, len(input.Body.Decisions))
		for _, d := range input.Body.Decisions {
			ds = append(ds, d.decision())
		}
		res, err := h.engine.RecordAdvisorAuthorization(ctx, scope, ds, actor)
		if err != nil {
			return nil, handleError(err)
		}
		return &recomputeOutput{Body: recomputeResponse(res)}, nil
	})
}

func registerGrouping(api huma.API, h handlers) {
	huma.Register(api, huma.Operation{
		OperationID:   "create-group",
		Method:        http.MethodPost,
		Path:          "/health-checks/{id}/groups",
		Summary:       "Group existing items under a new group",
		DefaultStatus: http.StatusCreated,
		Errors:        staffErrors,
	}, func(ctx context.Context, input *struct {
		ID   string             `path:"id"`
		Body CreateGroupRequest `json:"body"`
	}) (*struct {
		Body CreateGroupResponse `json:"body"`
	}, error) {
		actor, scope, authErr := staff(ctx, input.ID)
		if authErr != nil {
			return nil, authErr
		}
		groupID, res, err := h.engine.CreateGroup(ctx, scope, input.Body.Name, input.Body.MemberIDs, actor)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body CreateGroupResponse `json:"body"`
		}{Body: CreateGroupResponse{GroupID: groupID, Result: recomputeResponse(res)}}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "regroup-items",
		Method:      http.MethodPost,
		Path:        "/health-checks/{id}/groups/{group_id}/members",
		Summary:     "Move existing items into a group",
		Errors:      staffErrors,
	}, func(ctx context.Context, input *struct {
		ID      string         `path:"id"`
		GroupID string         `path:"group_id"`
		Body    RegroupRequest `json:"body"`
	}) (*recomputeOutput, error) {
		actor, scope, authErr := staff(ctx, input.ID)
		if authErr != nil {
			return nil, authErr
		}
		res, err := h.engine.RegroupExistingItems(ctx, scope, input.GroupID, input.Body.MemberIDs, actor)
		if err != nil {
			return nil, handleError(err)
		}
		return &recomputeOutput{Body: recomputeResponse(res)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "ungroup",
		Method:      http.MethodDelete,
		Path:        "/health-checks/{id}/groups/{group_id}",
		Summary:     "Ungroup a repair group",
		Errors:      staffErrors,
	}, func(ctx context.Context, input *struct {
		ID      string `path:"id"`
		GroupID string `path:"group_id"`
	}) (*recomputeOutput, error) {
		actor, scope, authErr := staff(ctx, input.ID)
		if authErr != nil {
			return nil, authErr
		}
		res, err := h.engine.UngroupRepairGroup(ctx, scope, input.GroupID, actor)
		if err != nil {
			return nil, handleError(err)
		}
		return &recomputeOutput{Body: recomputeResponse(res)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "delete-repair-item",
		Method:      http.MethodDelete,
		Path:        "/health-checks/{id}/items/{item_id}",
		Summary:     "Soft-delete a repair item",
		Errors:      staffErrors,
	}, func(ctx context.Context, input *struct {
		ID     string `path:"id"`
		ItemID string `path:"item_id"`
	}) (*recomputeOutput, error) {
		actor, scope, authErr := staff(ctx, input.ID)
		if authErr != nil {
			return nil, authErr
		}
		res, err := h.engine.DeleteRepairItem(ctx, scope, input.ItemID, actor)
		if err != nil {
			return nil, handleError(err)
		}
		return &recomputeOutput{Body: recomputeResponse(res)}, nil
	})
}

var portalErrors = []int{
	http.StatusBadRequest,
	http.StatusNotFound,
	http.StatusConflict,
	http.StatusGone,
	http.StatusInternalServerError,
}

func registerPortal(api huma.API, h handlers) {
	type tokenPath struct {
		Token string `path:"token"`
	}
	huma.Register(api, huma.Operation{
		OperationID: "portal-view",
		Method:      http.MethodGet,
		Path:        "/portal/{token}",
		Summary:     "Customer view of a health check",
		Errors:      portalErrors,
	}, func(ctx context.Context, input *tokenPath) (*summaryOutput, error) {
		s, err := h.engine.RecordPortalView(ctx, input.Token)
		if err != nil {
			return nil, handleError(err)
		}
		return &summaryOutput{Body: summaryResponse(s, h.aggregator())}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "portal-decision",
		Method:      http.MethodPost,
		Path:        "/portal/{token}/decisions",
		Summary:     "Customer decision on one repair item",
		Errors:      portalErrors,
	}, func(ctx context.Context, input *struct {
		Token string          `path:"token"`
		Body  DecisionRequest `json:"body"`
	}) (*recomputeOutput, error) {
		res, err := h.engine.PortalDecide(ctx, input.Token, input.Body.decision())
		if err != nil {
			return nil, handleError(err)
		}
		return &recomputeOutput{Body: recomputeResponse(res)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "portal-decide-all",
		Method:      http.MethodPost,
		Path:        "/portal/{token}/decisions/all",
		Summary:     "Customer approve-all or decline-all",
		Errors:      portalErrors,
	}, func(ctx context.Context, input *struct {
		Token string           `path:"token"`
		Body  DecideAllRequest `json:"body"`
	}) (*recomputeOutput, error) {
		res, err := h.engine.PortalDecideAll(ctx, input.Token, domain.Outcome(input.Body.Outcome))
		if err != nil {
			return nil, handleError(err)
		}
		return &recomputeOutput{Body: recomputeResponse(res)}, nil
	})
}

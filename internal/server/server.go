package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"path"
	"strconv"
	"strings"
	"time"

	"github.com/danielgtaylor/huma/v2"
	humachi "github.com/danielgtaylor/huma/v2/adapters/humachi"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"shipline/internal/domain"
	"shipline/internal/engine"
	"shipline/internal/intent"
	"shipline/internal/orchestrator"
	"shipline/internal/sdlc"
)

// Config for the HTTP API handler.
type Config struct {
	Engine   engine.Engine
	BasePath string
	Auth     AuthConfig
	Logger   *zap.Logger
}

type apiErrorBody struct {
	Code    string         `json:"code" example:"invalid_transition"`
	Message string         `json:"message" example:"cannot move project p1 from PLANNING to STAGING"`
	Details map[string]any `json:"details,omitempty" jsonschema:"type=object,additionalProperties=true"`
}

// apiError models the error envelope.
type apiError struct {
	status int
	Body   apiErrorBody `json:"error"`
}

func (e *apiError) GetStatus() int { return e.status }
func (e *apiError) Error() string  { return e.Body.Message }

type output[T any] struct {
	Body T
}

func respond[T any](v T) *output[T] { return &output[T]{Body: v} }

// New returns an HTTP handler exposing the shipline API.
func New(cfg Config) (http.Handler, error) {
	basePath := cfg.BasePath
	if basePath == "" {
		basePath = "/v0"
	}
	if !strings.HasPrefix(basePath, "/") {
		basePath = "/" + basePath
	}
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}
	if cfg.Auth.Logger == nil {
		cfg.Auth.Logger = cfg.Logger
	}
	huma.DefaultArrayNullable = false
	huma.NewError = func(status int, msg string, errs ...error) huma.StatusError {
		return newAPIError(status, "", msg, nil)
	}
	huma.NewErrorWithContext = func(_ huma.Context, status int, msg string, errs ...error) huma.StatusError {
		if status == http.StatusUnprocessableEntity && strings.Contains(strings.ToLower(msg), "validation") {
			// schema validation is a bad request; 422 is kept for inference failures
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
	router.Use(instrument)
	router.Use(newAuthMiddleware(basePath, cfg.Auth))
	router.Method(http.MethodGet, "/metrics", promhttp.Handler())

	hcfg := huma.DefaultConfig("Shipline API", "0.1.0")
	hcfg.OpenAPIPath = ""
	hcfg.DocsPath = ""
	api := humachi.New(router, hcfg)
	group := huma.NewGroup(api, basePath)

	e := cfg.Engine
	registerDocs(router, basePath)
	registerHealth(group)
	registerIntents(group, e)
	registerRisk(group, e)
	registerRuns(group, e, cfg.Logger)
	registerProjects(group, e)
	registerExecutions(group, e)
	registerEvents(group, e)
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
	var te *sdlc.InvalidTransitionError
	if errors.As(err, &te) {
		return newAPIError(http.StatusConflict, "invalid_transition", err.Error(), map[string]any{
			"from": string(te.From),
			"to":   string(te.To),
		})
	}
	var ie *intent.InferenceError
	if errors.As(err, &ie) {
		return newAPIError(http.StatusUnprocessableEntity, "inference_failed", err.Error(), map[string]any{"reason": ie.Reason})
	}
	switch {
	case errors.Is(err, domain.ErrNotFound):
		return newAPIError(http.StatusNotFound, "not_found", err.Error(), nil)
	case errors.Is(err, sdlc.ErrInvalidMetric), errors.Is(err, orchestrator.ErrNoIntent):
		return newAPIError(http.StatusBadRequest, "bad_request", err.Error(), nil)
	case errors.Is(err, context.DeadlineExceeded):
		return newAPIError(http.StatusGatewayTimeout, "timeout", err.Error(), nil)
	}
	msg := err.Error()
	lowered := strings.ToLower(msg)
	switch {
	case strings.Contains(lowered, "invalid"),
		strings.Contains(lowered, "unknown"),
		strings.Contains(lowered, "required"),
		strings.Contains(lowered, "must"):
		return newAPIError(http.StatusBadRequest, "bad_request", msg, nil)
	default:
		return newAPIError(http.StatusInternalServerError, "internal_error", "internal error", map[string]any{"error": msg})
	}
}

func defaultCodeForStatus(status int) string {
	switch status {
	case http.StatusBadRequest:
		return "bad_request"
	case http.StatusUnauthorized:
		return "unauthorized"
	case http.StatusForbidden:
		return "forbidden"
	case http.StatusNotFound:
		return "not_found"
	case http.StatusConflict:
		return "conflict"
	case http.StatusUnprocessableEntity:
		return "validation_failed"
	case http.StatusPreconditionRequired:
		return "confirmation_required"
	case http.StatusInternalServerError:
		return "internal_error"
	default:
		return strings.ToLower(strings.ReplaceAll(http.StatusText(status), " ", "_"))
	}
}

// confirmationError reports a run that stopped at the confirmation gate.
func confirmationError(res domain.ExecutionResult) huma.StatusError {
	details := map[string]any{"execution_id": res.ExecutionID, "intent": res.Intent}
	if res.Assessment != nil {
		details["assessment"] = res.Assessment
	}
	return newAPIError(http.StatusPreconditionRequired, "confirmation_required", res.Summary, details)
}

func awaitingConfirmation(res domain.ExecutionResult, confirmed bool) bool {
	return !confirmed && res.OverallStatus == domain.StatusSkipped &&
		res.Assessment != nil && res.Assessment.RequiresConfirmation
}

func registerDocs(r chi.Router, basePath string) {
	r.Get("/docs", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/html")
		io.WriteString(w, swaggerHTML(basePath))
	})
}

func registerOpenAPI(r chi.Router, api huma.API, basePath string) {
	var spec []byte
	specPath := path.Join(basePath, "openapi.json")
	r.Get(specPath, func(w http.ResponseWriter, r *http.Request) {
		if spec == nil {
			oas := api.OpenAPI()
			ensureDefaultErrorResponses(oas)
			applyAuthSecurity(oas, basePath)
			spec, _ = json.Marshal(oas)
		}
		w.Header().Set("Content-Type", "application/json")
		w.Write(spec)
	})
}

func ensureDefaultErrorResponses(oas *huma.OpenAPI) {
	if oas == nil || oas.Paths == nil {
		return
	}
	if oas.Components == nil {
		oas.Components = &huma.Components{}
	}
	if oas.Components.Schemas != nil {
		oas.Components.Schemas.Map()["ApiError"] = &huma.Schema{
			Type: huma.TypeObject,
			Properties: map[string]*huma.Schema{
				"error": {
					Type: huma.TypeObject,
					Properties: map[string]*huma.Schema{
						"code":    {Type: huma.TypeString},
						"message": {Type: huma.TypeString},
						"details": {Type: huma.TypeObject},
					},
				},
			},
		}
	}
	for _, item := range oas.Paths {
		for _, op := range []*huma.Operation{
			item.Get, item.Put, item.Post, item.Delete, item.Patch,
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
	healthPath := path.Join("/", basePath, "health")
	for route, item := range oas.Paths {
		for _, op := range []*huma.Operation{
			item.Get, item.Put, item.Post, item.Delete, item.Patch,
		} {
			if op == nil {
				continue
			}
			if route == healthPath {
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
    <title>Shipline API Docs</title>
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
  </body>
</html>`, specURL)
}

func registerHealth(api huma.API) {
	huma.Register(api, huma.Operation{
		OperationID: "health",
		Method:      http.MethodGet,
		Path:        "/health",
		Summary:     "Health check",
	}, func(ctx context.Context, _ *struct{}) (*output[map[string]string], error) {
		return respond(map[string]string{"status": "ok"}), nil
	})
}

func registerIntents(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "infer-intent",
		Method:      http.MethodPost,
		Path:        "/intents/infer",
		Summary:     "Infer a structured intent from a command",
		Errors:      []int{http.StatusBadRequest, http.StatusUnprocessableEntity},
	}, func(ctx context.Context, input *struct {
		Body InferIntentRequest
	}) (*output[domain.Intent], error) {
		userID, authErr := caller(ctx, input.Body.ProjectID)
		if authErr != nil {
			return nil, authErr
		}
		in, err := e.InferIntent(ctx, input.Body.Command, userID, input.Body.ProjectID, input.Body.Context)
		if err != nil {
			return nil, handleError(err)
		}
		return respond(in), nil
	})

	huma.Register(api, huma.Operation{
		OperationID:   "register-intent",
		Method:        http.MethodPost,
		Path:          "/intents",
		Summary:       "Register or replace an intent definition",
		DefaultStatus: http.StatusCreated,
		Errors:        []int{http.StatusBadRequest},
	}, func(ctx context.Context, input *struct {
		Body RegisterIntentRequest
	}) (*output[domain.IntentDefinition], error) {
		userID, authErr := caller(ctx, "")
		if authErr != nil {
			return nil, authErr
		}
		def, err := e.RegisterIntent(ctx, input.Body.definition(), userID)
		if err != nil {
			return nil, handleError(err)
		}
		return respond(def), nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-intents",
		Method:      http.MethodGet,
		Path:        "/intents",
		Summary:     "List active intent definitions",
	}, func(ctx context.Context, _ *struct{}) (*output[intentList], error) {
		return respond(intentList{Items: e.IntentDefinitions()}), nil
	})
}

func registerRisk(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "assess-risk",
		Method:      http.MethodPost,
		Path:        "/risk/assess",
		Summary:     "Assess the risk of an intent",
		Errors:      []int{http.StatusBadRequest},
	}, func(ctx context.Context, input *struct {
		Body AssessRiskRequest
	}) (*output[domain.RiskAssessment], error) {
		if _, authErr := caller(ctx, input.Body.ProjectID); authErr != nil {
			return nil, authErr
		}
		a, err := e.AssessRisk(ctx, input.Body.Intent.intent(), input.Body.ProjectID)
		if err != nil {
			return nil, handleError(err)
		}
		return respond(a), nil
	})
}

func registerRuns(api huma.API, e engine.Engine, log *zap.Logger) {
	huma.Register(api, huma.Operation{
		OperationID: "execute-intent",
		Method:      http.MethodPost,
		Path:        "/projects/{project_id}/execute",
		Summary:     "Execute an intent against a project",
		Errors:      []int{http.StatusBadRequest, http.StatusNotFound, http.StatusPreconditionRequired},
	}, func(ctx context.Context, input *struct {
		ProjectID string `path:"project_id"`
		Body      ExecuteRequest
	}) (*output[domain.ExecutionResult], error) {
		userID, authErr := caller(ctx, input.ProjectID)
		if authErr != nil {
			return nil, authErr
		}
		var opts []orchestrator.RunOption
		if input.Body.TimeoutSeconds > 0 {
			opts = append(opts, orchestrator.WithTimeout(time.Duration(input.Body.TimeoutSeconds)*time.Second))
		}
		if len(input.Body.Params) > 0 {
			opts = append(opts, orchestrator.WithParams(input.Body.Params))
		}
		if input.Body.Confirmed {
			opts = append(opts, orchestrator.WithConfirmed())
		}
		res, err := e.Execute(ctx, input.Body.Intent.intent(), userID, input.ProjectID, opts...)
		if err != nil {
			return nil, handleError(err)
		}
		if awaitingConfirmation(res, input.Body.Confirmed) {
			return nil, confirmationError(res)
		}
		return respond(res), nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "run-command",
		Method:      http.MethodPost,
		Path:        "/projects/{project_id}/run",
		Summary:     "Infer, assess and execute a free-form command",
		Errors:      []int{http.StatusBadRequest, http.StatusNotFound, http.StatusUnprocessableEntity, http.StatusPreconditionRequired},
	}, func(ctx context.Context, input *struct {
		ProjectID string `path:"project_id"`
		Body      RunRequest
	}) (*output[engine.RunResult], error) {
		userID, authErr := caller(ctx, input.ProjectID)
		if authErr != nil {
			return nil, authErr
		}
		out, err := e.Run(ctx, input.Body.engineRequest(userID, input.ProjectID))
		if err != nil {
			return nil, handleError(err)
		}
		if out.Execution != nil && awaitingConfirmation(*out.Execution, input.Body.Confirmed) {
			log.Info("run awaiting confirmation",
				zap.String("project_id", input.ProjectID),
				zap.String("execution_id", out.Execution.ExecutionID))
			return nil, confirmationError(*out.Execution)
		}
		return respond(out), nil
	})
}

func registerProjects(api huma.API, e engine.Engine) {
	type projectPath struct {
		ProjectID string `path:"project_id"`
	}

	huma.Register(api, huma.Operation{
		OperationID: "list-projects",
		Method:      http.MethodGet,
		Path:        "/projects",
		Summary:     "List project states",
	}, func(ctx context.Context, _ *struct{}) (*output[[]domain.ProjectState], error) {
		items, err := e.ListProjects(ctx)
		if err != nil {
			return nil, handleError(err)
		}
		p, _ := principalFromContext(ctx)
		visible := []domain.ProjectState{}
		for _, st := range items {
			if p.CanAccess(st.ProjectID) {
				visible = append(visible, st)
			}
		}
		return respond(visible), nil
	})

	huma.Register(api, huma.Operation{
		OperationID:   "initialize-project",
		Method:        http.MethodPost,
		Path:          "/projects/{project_id}",
		Summary:       "Initialize a project in PLANNING",
		DefaultStatus: http.StatusCreated,
		Errors:        []int{http.StatusBadRequest},
	}, func(ctx context.Context, input *projectPath) (*output[domain.ProjectState], error) {
		userID, authErr := caller(ctx, input.ProjectID)
		if authErr != nil {
			return nil, authErr
		}
		st, err := e.InitializeProject(ctx, input.ProjectID, userID)
		if err != nil {
			return nil, handleError(err)
		}
		return respond(st), nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-project-state",
		Method:      http.MethodGet,
		Path:        "/projects/{project_id}",
		Summary:     "Get the current project state",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *projectPath) (*output[domain.ProjectState], error) {
		if _, authErr := caller(ctx, input.ProjectID); authErr != nil {
			return nil, authErr
		}
		st, err := e.GetCurrentState(ctx, input.ProjectID)
		if err != nil {
			return nil, handleError(err)
		}
		return respond(st), nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "transition-project",
		Method:      http.MethodPost,
		Path:        "/projects/{project_id}/transition",
		Summary:     "Move a project to an adjacent phase",
		Errors:      []int{http.StatusBadRequest, http.StatusNotFound, http.StatusConflict},
	}, func(ctx context.Context, input *struct {
		ProjectID string `path:"project_id"`
		Body      TransitionRequest
	}) (*output[domain.ProjectState], error) {
		userID, authErr := caller(ctx, input.ProjectID)
		if authErr != nil {
			return nil, authErr
		}
		phase, err := domain.ParsePhase(input.Body.Phase)
		if err != nil {
			return nil, handleError(err)
		}
		st, err := e.TransitionTo(ctx, input.ProjectID, phase, userID)
		if err != nil {
			return nil, handleError(err)
		}
		return respond(st), nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "update-metrics",
		Method:      http.MethodPatch,
		Path:        "/projects/{project_id}/metrics",
		Summary:     "Update standard project metrics",
		Errors:      []int{http.StatusBadRequest, http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		ProjectID string `path:"project_id"`
		Body      MetricsRequest
	}) (*output[domain.ProjectState], error) {
		userID, authErr := caller(ctx, input.ProjectID)
		if authErr != nil {
			return nil, authErr
		}
		st, err := e.UpdateMetrics(ctx, input.ProjectID, input.Body.update(), userID)
		if err != nil {
			return nil, handleError(err)
		}
		return respond(st), nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "put-custom-metric",
		Method:      http.MethodPut,
		Path:        "/projects/{project_id}/metrics/custom/{key}",
		Summary:     "Set a custom metric",
		Errors:      []int{http.StatusBadRequest, http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		ProjectID string `path:"project_id"`
		Key       string `path:"key"`
		Body      CustomMetricRequest
	}) (*output[domain.ProjectState], error) {
		userID, authErr := caller(ctx, input.ProjectID)
		if authErr != nil {
			return nil, authErr
		}
		st, err := e.AddCustomMetric(ctx, input.ProjectID, input.Key, input.Body.Value, userID)
		if err != nil {
			return nil, handleError(err)
		}
		return respond(st), nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-readiness",
		Method:      http.MethodGet,
		Path:        "/projects/{project_id}/readiness",
		Summary:     "Assess release readiness",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *projectPath) (*output[domain.ReadinessAssessment], error) {
		if _, authErr := caller(ctx, input.ProjectID); authErr != nil {
			return nil, authErr
		}
		ra, err := e.CalculateReadiness(ctx, input.ProjectID)
		if err != nil {
			return nil, handleError(err)
		}
		return respond(ra), nil
	})
}

func registerExecutions(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "list-executions",
		Method:      http.MethodGet,
		Path:        "/projects/{project_id}/executions",
		Summary:     "List executions, newest first",
		Errors:      []int{http.StatusBadRequest},
	}, func(ctx context.Context, input *struct {
		ProjectID string `path:"project_id"`
		UserID    string `query:"user_id"`
		Since     string `query:"since" doc:"RFC3339 lower bound on start time"`
		Until     string `query:"until" doc:"RFC3339 upper bound on start time"`
		Limit     int    `query:"limit" default:"50"`
	}) (*output[executionList], error) {
		if _, authErr := caller(ctx, input.ProjectID); authErr != nil {
			return nil, authErr
		}
		f := domain.ExecutionFilter{ProjectID: input.ProjectID, UserID: input.UserID, Limit: normalizeLimit(input.Limit)}
		var err error
		if f.Since, err = parseTimeParam("since", input.Since); err != nil {
			return nil, err
		}
		if f.Until, err = parseTimeParam("until", input.Until); err != nil {
			return nil, err
		}
		items, err := e.ListExecutions(ctx, f)
		if err != nil {
			return nil, handleError(err)
		}
		if items == nil {
			items = []domain.ExecutionResult{}
		}
		return respond(executionList{Items: items}), nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-execution",
		Method:      http.MethodGet,
		Path:        "/executions/{execution_id}",
		Summary:     "Get one execution with its phase results",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		ExecutionID string `path:"execution_id"`
	}) (*output[domain.ExecutionResult], error) {
		res, err := e.GetExecution(ctx, input.ExecutionID)
		if err != nil {
			return nil, handleError(err)
		}
		if _, authErr := caller(ctx, res.ProjectID); authErr != nil {
			return nil, authErr
		}
		return respond(res), nil
	})
}

func registerEvents(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "list-events",
		Method:      http.MethodGet,
		Path:        "/projects/{project_id}/events",
		Summary:     "List recent events",
		Errors:      []int{http.StatusBadRequest},
	}, func(ctx context.Context, input *struct {
		ProjectID string `path:"project_id"`
		Type      string `query:"type"`
		Limit     int    `query:"limit" default:"50"`
		Cursor    string `query:"cursor"`
	}) (*output[paginatedEvents], error) {
		if _, authErr := caller(ctx, input.ProjectID); authErr != nil {
			return nil, authErr
		}
		limit := normalizeLimit(input.Limit)
		var cursorID int64
		if input.Cursor != "" {
			parsed, err := strconv.ParseInt(input.Cursor, 10, 64)
			if err != nil {
				return nil, newAPIError(http.StatusBadRequest, "bad_request", "invalid cursor", map[string]any{"cursor": input.Cursor})
			}
			cursorID = parsed
		}
		items, err := e.Events(ctx, input.ProjectID, input.Type, limit+1, cursorID)
		if err != nil {
			return nil, handleError(err)
		}
		resp := paginatedEvents{Items: []domain.Event{}}
		if len(items) > limit {
			// the next page starts below the last returned id
			resp.NextCursor = strconv.FormatInt(items[limit-1].ID, 10)
			items = items[:limit]
		}
		resp.Items = append(resp.Items, items...)
		return respond(resp), nil
	})
}

func normalizeLimit(in int) int {
	if in <= 0 {
		return 50
	}
	if in > 200 {
		return 200
	}
	return in
}

func parseTimeParam(name, raw string) (*time.Time, error) {
	if strings.TrimSpace(raw) == "" {
		return nil, nil
	}
	t, err := time.Parse(time.RFC3339, raw)
	if err != nil {
		return nil, newAPIError(http.StatusBadRequest, "bad_request", "invalid "+name, map[string]any{name: raw})
	}
	return &t, nil
}

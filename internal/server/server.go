package server

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"path"
	"strings"
	"time"

	"github.com/danielgtaylor/huma/v2"
	humachi "github.com/danielgtaylor/huma/v2/adapters/humachi"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/google/uuid"

	"iqeas/internal/domain"
	"iqeas/internal/engine"
	"iqeas/internal/engine/auth"
	"iqeas/internal/events"
	"iqeas/internal/logging"
	"iqeas/internal/worksession"
)

// Sessions answers work summary queries.
type Sessions interface {
	Summary(ctx context.Context, workerID, deliverableID int64) (worksession.Summary, error)
}

// Config for the HTTP API handler.
type Config struct {
	Engine   engine.Engine
	Sessions Sessions
	// Gateway serves the websocket timer at <base>/ws when set.
	Gateway  http.Handler
	BasePath string
	Auth     AuthConfig
	Logger   *logging.Logger
}

type apiErrorBody struct {
	Code    string         `json:"code" example:"invalid_transition"`
	Message string         `json:"message" example:"stage IFR: cannot apply \"approved\" from \"locked\""`
	Details map[string]any `json:"details,omitempty" jsonschema:"type=object,additionalProperties=true"`
}

type bodyBytesKey struct{}

// apiError models the error envelope.
type apiError struct {
	status int
	Body   apiErrorBody `json:"error"`
}

func (e *apiError) GetStatus() int { return e.status }
func (e *apiError) Error() string  { return e.Body.Message }

// New returns an HTTP handler exposing the API and, when configured, the websocket gateway.
func New(cfg Config) (http.Handler, error) {
	basePath := cfg.BasePath
	if basePath == "" {
		basePath = "/v1"
	}
	if !strings.HasPrefix(basePath, "/") {
		basePath = "/" + basePath
	}
	log := cfg.Logger
	if log == nil {
		log = logging.Nop()
	}
	log = log.WithComponent("http")
	if cfg.Auth.Logger == nil {
		cfg.Auth.Logger = log
	}
	huma.DefaultArrayNullable = false
	huma.NewError = func(status int, msg string, errs ...error) huma.StatusError {
		return newAPIError(status, "", msg, nil)
	}
	huma.NewErrorWithContext = func(_ huma.Context, status int, msg string, errs ...error) huma.StatusError {
		if status == http.StatusUnprocessableEntity {
			status = http.StatusBadRequest
		}
		var details map[string]any
		if len(errs) > 0 {
			details = map[string]any{"errors": errs}
		}
		code := ""
		if status == http.StatusBadRequest {
			code = "validation_error"
		}
		return newAPIError(status, code, msg, details)
	}

	authn := Authenticator{Config: cfg.Auth, Repo: cfg.Engine.Repo}
	wsPath := path.Join(basePath, "ws")

	router := chi.NewRouter()
	router.Use(middleware.Recoverer)
	router.Use(requestLogger(log))
	router.Use(func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if r.Body == nil || r.Method == http.MethodGet {
				next.ServeHTTP(w, r)
				return
			}
			data, _ := io.ReadAll(r.Body)
			r.Body = io.NopCloser(bytes.NewBuffer(data))
			ctx := context.WithValue(r.Context(), bodyBytesKey{}, data)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	})
	router.Use(newAuthMiddleware(basePath, authn, wsPath))
	if cfg.Gateway != nil {
		router.Handle(wsPath, cfg.Gateway)
	}

	hcfg := huma.DefaultConfig("IQEAS Deliverables API", "1.0.0")
	hcfg.OpenAPIPath = ""
	hcfg.DocsPath = ""
	api := humachi.New(router, hcfg)
	group := huma.NewGroup(api, basePath)

	registerDocs(router, basePath)
	registerHealth(group)
	registerMe(group)
	registerDevAuth(group, cfg.Auth)
	registerDeliverables(group, cfg.Engine)
	registerStages(group, cfg.Engine)
	registerTasks(group, cfg.Engine)
	registerTeams(group, cfg.Engine)
	registerWork(group, cfg.Engine, cfg.Sessions)
	registerEvents(group, cfg.Engine)
	registerOpenAPI(router, api, basePath)

	return router, nil
}

func requestLogger(log *logging.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			reqID := r.Header.Get("X-Request-Id")
			if reqID == "" {
				reqID = uuid.NewString()
			}
			w.Header().Set("X-Request-Id", reqID)
			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
			start := time.Now()
			next.ServeHTTP(ww, r)
			log.Debug("request", "request_id", reqID, "method", r.Method, "path", r.URL.Path,
				"status", ww.Status(), "duration_ms", time.Since(start).Milliseconds())
		})
	}
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

// handleError maps engine and coordinator errors to the envelope. The code is
// the same reason code the websocket gateway reports.
func handleError(err error) huma.StatusError {
	if err == nil {
		return nil
	}
	code := domain.ReasonCode(err)
	var (
		te domain.TransitionError
		ve domain.ValidationError
		fe auth.ForbiddenError
	)
	switch {
	case errors.As(err, &fe):
		return newAPIError(http.StatusForbidden, code, err.Error(), map[string]any{"action": fe.Action, "role": fe.Role})
	case errors.Is(err, domain.ErrNoActiveSession):
		return newAPIError(http.StatusConflict, code, err.Error(), nil)
	case errors.As(err, &te):
		return newAPIError(http.StatusConflict, code, err.Error(), map[string]any{"entity": te.Entity, "from": te.From, "action": te.Action})
	case errors.As(err, &ve):
		return newAPIError(http.StatusBadRequest, code, err.Error(), map[string]any{"field": ve.Field, "reason": ve.Reason})
	case errors.Is(err, domain.ErrPersistence):
		return newAPIError(http.StatusServiceUnavailable, code, err.Error(), nil)
	case errors.Is(err, domain.ErrNotFound):
		return newAPIError(http.StatusNotFound, code, err.Error(), nil)
	default:
		return newAPIError(http.StatusInternalServerError, "internal_error", "internal error", map[string]any{"error": err.Error()})
	}
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
	case http.StatusForbidden:
		return "forbidden"
	case http.StatusInternalServerError:
		return "internal_error"
	default:
		return strings.ToLower(strings.ReplaceAll(http.StatusText(status), " ", "_"))
	}
}

func registerOpenAPI(r chi.Router, api huma.API, basePath string) {
	var spec []byte
	r.Get(path.Join(basePath, "openapi.json"), func(w http.ResponseWriter, r *http.Request) {
		if spec == nil {
			oas := api.OpenAPI()
			applyAuthSecurity(oas, basePath)
			spec, _ = json.Marshal(oas)
		}
		w.Header().Set("Content-Type", "application/json")
		w.Write(spec)
	})
}

func registerDocs(r chi.Router, basePath string) {
	specURL := path.Join("/", basePath, "openapi.json")
	r.Get("/docs", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/html")
		fmt.Fprintf(w, docsHTML, specURL)
	})
}

const docsHTML = `<!doctype html>
<html lang="en">
  <head>
    <meta charset="utf-8"/>
    <title>IQEAS API Docs</title>
    <link rel="stylesheet" href="https://unpkg.com/swagger-ui-dist@5/swagger-ui.css" />
  </head>
  <body>
    <div id="swagger-ui"></div>
    <script src="https://unpkg.com/swagger-ui-dist@5/swagger-ui-bundle.js" crossorigin></script>
    <script>
      window.onload = () => { SwaggerUIBundle({ url: '%s', dom_id: '#swagger-ui' }); };
    </script>
  </body>
</html>`

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
	oas.Components.SecuritySchemes["bearerAuth"] = &huma.SecurityScheme{Type: "http", Scheme: "bearer", BearerFormat: "JWT"}
	oas.Components.SecuritySchemes["apiKeyAuth"] = &huma.SecurityScheme{Type: "apiKey", In: "header", Name: "X-Api-Key"}
	security := []map[string][]string{{"bearerAuth": {}}, {"apiKeyAuth": {}}}
	oas.Security = security
	open := map[string]bool{
		path.Join(basePath, "health"):         true,
		path.Join(basePath, "auth/dev/login"): true,
	}
	for route, item := range oas.Paths {
		for _, op := range []*huma.Operation{item.Get, item.Put, item.Post, item.Delete, item.Patch} {
			if op == nil {
				continue
			}
			if open[route] {
				op.Security = []map[string][]string{}
				continue
			}
			op.Security = security
		}
	}
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
		p, ok := principalFromContext(ctx)
		if !ok {
			return nil, newAPIError(http.StatusUnauthorized, "unauthorized", "authentication required", nil)
		}
		return &struct {
			Body WhoAmIResponse `json:"body"`
		}{Body: WhoAmIResponse{WorkerID: p.WorkerID, Role: p.Role, Source: p.Source}}, nil
	})
}

func registerDevAuth(api huma.API, authCfg AuthConfig) {
	huma.Register(api, huma.Operation{
		OperationID: "dev-login",
		Method:      http.MethodPost,
		Path:        "/auth/dev/login",
		Summary:     "DEV ONLY: mint a JWT for local testing",
		Errors:      []int{http.StatusBadRequest, http.StatusNotFound, http.StatusInternalServerError},
	}, func(ctx context.Context, input *struct {
		Body DevLoginRequest `json:"body"`
	}) (*struct {
		Body DevLoginResponse `json:"body"`
	}, error) {
		if !authCfg.DevLogin {
			return nil, newAPIError(http.StatusNotFound, "not_found", "dev login disabled", nil)
		}
		token, exp, err := SignToken(authCfg.JWTSecret, input.Body.WorkerID, input.Body.Role, authCfg.TokenTTL, time.Now())
		if err != nil {
			if errors.Is(err, domain.ErrValidation) {
				return nil, handleError(err)
			}
			return nil, newAPIError(http.StatusInternalServerError, "internal_error", err.Error(), nil)
		}
		return &struct {
			Body DevLoginResponse `json:"body"`
		}{Body: DevLoginResponse{Token: token, ExpiresAt: exp}}, nil
	})
}

var mutationErrors = []int{
	http.StatusBadRequest,
	http.StatusUnauthorized,
	http.StatusForbidden,
	http.StatusNotFound,
	http.StatusConflict,
	http.StatusServiceUnavailable,
	http.StatusInternalServerError,
}

func registerDeliverables(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID:   "create-deliverable",
		Method:        http.MethodPost,
		Path:          "/deliverables",
		Summary:       "Create deliverable",
		DefaultStatus: http.StatusCreated,
		Errors:        mutationErrors,
	}, func(ctx context.Context, input *struct {
		Body CreateDeliverableRequest `json:"body"`
	}) (*struct {
		Body domain.Deliverable `json:"body"`
	}, error) {
		actor, authErr := actorFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		d, err := e.CreateDeliverable(ctx, actor, input.Body.ProjectID, input.Body.Title)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.Deliverable `json:"body"`
		}{Body: d}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-deliverables",
		Method:      http.MethodGet,
		Path:        "/deliverables",
		Summary:     "List deliverables",
	}, func(ctx context.Context, input *struct {
		ProjectID string `query:"project_id"`
	}) (*struct {
		Body DeliverableListResponse `json:"body"`
	}, error) {
		items, err := e.Repo.ListDeliverables(ctx, input.ProjectID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body DeliverableListResponse `json:"body"`
		}{Body: DeliverableListResponse{Items: nonNil(items)}}, nil
	})
}

type stagePath struct {
	DeliverableID int64  `path:"deliverable_id"`
	Stage         string `path:"stage" enum:"IDC,IFR,IFA,AFC"`
}

func parseStage(raw string) (domain.StageName, huma.StatusError) {
	stage, ok := domain.ParseStage(strings.ToUpper(raw))
	if !ok {
		return "", handleError(domain.ValidationError{Field: "stage", Reason: fmt.Sprintf("unknown stage %q", raw)})
	}
	return stage, nil
}

func registerStages(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "stage-status",
		Method:      http.MethodGet,
		Path:        "/deliverables/{deliverable_id}/stages",
		Summary:     "Derived status of every stage",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		DeliverableID int64 `path:"deliverable_id"`
	}) (*struct {
		Body StagesResponse `json:"body"`
	}, error) {
		states, err := e.StageStatuses(ctx, input.DeliverableID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body StagesResponse `json:"body"`
		}{Body: StagesResponse{DeliverableID: input.DeliverableID, Stages: states}}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID:   "append-stage-event",
		Method:        http.MethodPost,
		Path:          "/deliverables/{deliverable_id}/stages/{stage}/events",
		Summary:       "Append a stage event",
		DefaultStatus: http.StatusCreated,
		Errors:        mutationErrors,
	}, func(ctx context.Context, input *struct {
		stagePath
		Body StageEventRequest `json:"body"`
	}) (*struct {
		Body StageEventResponse `json:"body"`
	}, error) {
		actor, authErr := actorFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		stage, serr := parseStage(input.Stage)
		if serr != nil {
			return nil, serr
		}
		evt, states, err := e.AppendStageEvent(ctx, actor, engine.StageEventInput{
			DeliverableID: input.DeliverableID,
			Stage:         stage,
			Action:        input.Body.Action,
			Note:          input.Body.Note,
			Attachments:   attachments(input.Body.Attachments),
		})
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body StageEventResponse `json:"body"`
		}{Body: StageEventResponse{Event: evt, Stages: states}}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "stage-timeline",
		Method:      http.MethodGet,
		Path:        "/deliverables/{deliverable_id}/stages/{stage}/timeline",
		Summary:     "Replay a stage log",
		Errors:      []int{http.StatusBadRequest, http.StatusNotFound},
	}, func(ctx context.Context, input *stagePath) (*struct {
		Body StageTimelineResponse `json:"body"`
	}, error) {
		stage, serr := parseStage(input.Stage)
		if serr != nil {
			return nil, serr
		}
		log, err := e.StageTimeline(ctx, input.DeliverableID, stage)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body StageTimelineResponse `json:"body"`
		}{Body: StageTimelineResponse{DeliverableID: input.DeliverableID, Stage: stage, Events: nonNil(log)}}, nil
	})
}

func registerTasks(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID:   "create-task",
		Method:        http.MethodPost,
		Path:          "/deliverables/{deliverable_id}/tasks",
		Summary:       "Create task",
		DefaultStatus: http.StatusCreated,
		Errors:        mutationErrors,
	}, func(ctx context.Context, input *struct {
		DeliverableID int64             `path:"deliverable_id"`
		Body          CreateTaskRequest `json:"body"`
	}) (*struct {
		Body engine.TaskView `json:"body"`
	}, error) {
		actor, authErr := actorFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		t, err := e.CreateTask(ctx, actor, engine.TaskCreateOptions{
			DeliverableID:  input.DeliverableID,
			Title:          input.Body.Title,
			Description:    input.Body.Description,
			Priority:       input.Body.Priority,
			Assignee:       domain.Assignee{Kind: input.Body.Assignee.Kind, ID: input.Body.Assignee.ID},
			DueDate:        input.Body.DueDate,
			EstimatedHours: input.Body.EstimatedHours,
			Notes:          input.Body.Notes,
		})
		if err != nil {
			return nil, handleError(err)
		}
		view, err := e.TaskStatus(ctx, t.ID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body engine.TaskView `json:"body"`
		}{Body: view}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-tasks",
		Method:      http.MethodGet,
		Path:        "/deliverables/{deliverable_id}/tasks",
		Summary:     "List tasks of a deliverable with derived status",
	}, func(ctx context.Context, input *struct {
		DeliverableID int64 `path:"deliverable_id"`
	}) (*struct {
		Body TaskListResponse `json:"body"`
	}, error) {
		items, err := e.ListTasks(ctx, input.DeliverableID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body TaskListResponse `json:"body"`
		}{Body: TaskListResponse{Items: nonNil(items)}}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "task-status",
		Method:      http.MethodGet,
		Path:        "/tasks/{task_id}",
		Summary:     "Task with derived status",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		TaskID int64 `path:"task_id"`
	}) (*struct {
		Body engine.TaskView `json:"body"`
	}, error) {
		view, err := e.TaskStatus(ctx, input.TaskID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body engine.TaskView `json:"body"`
		}{Body: view}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "task-action",
		Method:      http.MethodPost,
		Path:        "/tasks/{task_id}/actions",
		Summary:     "Apply a lifecycle action to a task",
		Errors:      mutationErrors,
	}, func(ctx context.Context, input *struct {
		TaskID int64             `path:"task_id"`
		Body   TaskActionRequest `json:"body"`
	}) (*struct {
		Body engine.TaskView `json:"body"`
	}, error) {
		actor, authErr := actorFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		in := engine.TaskActionInput{
			TaskID: input.TaskID,
			Action: input.Body.Action,
			Files:  attachments(input.Body.Files),
			Notes:  input.Body.Notes,
		}
		if a := input.Body.Assignee; a != nil {
			in.Assignee = &domain.Assignee{Kind: a.Kind, ID: a.ID}
		}
		view, err := e.ApplyTaskAction(ctx, actor, in)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body engine.TaskView `json:"body"`
		}{Body: view}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "task-timeline",
		Method:      http.MethodGet,
		Path:        "/tasks/{task_id}/timeline",
		Summary:     "Replay a task log",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		TaskID int64 `path:"task_id"`
	}) (*struct {
		Body TaskTimelineResponse `json:"body"`
	}, error) {
		log, err := e.TaskTimeline(ctx, input.TaskID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body TaskTimelineResponse `json:"body"`
		}{Body: TaskTimelineResponse{TaskID: input.TaskID, Events: nonNil(log)}}, nil
	})
}

func registerTeams(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID:   "create-team",
		Method:        http.MethodPost,
		Path:          "/teams",
		Summary:       "Create team",
		DefaultStatus: http.StatusCreated,
		Errors:        mutationErrors,
	}, func(ctx context.Context, input *struct {
		Body CreateTeamRequest `json:"body"`
	}) (*struct {
		Body domain.Team `json:"body"`
	}, error) {
		actor, authErr := actorFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		team, err := e.CreateTeam(ctx, actor, input.Body.Name, input.Body.Members)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.Team `json:"body"`
		}{Body: team}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "add-team-member",
		Method:      http.MethodPost,
		Path:        "/teams/{team_id}/members",
		Summary:     "Add a worker to a team",
		Errors:      mutationErrors,
	}, func(ctx context.Context, input *struct {
		TeamID int64                `path:"team_id"`
		Body   AddTeamMemberRequest `json:"body"`
	}) (*struct {
		Body domain.Team `json:"body"`
	}, error) {
		actor, authErr := actorFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		team, err := e.AddTeamMember(ctx, actor, input.TeamID, input.Body.WorkerID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.Team `json:"body"`
		}{Body: team}, nil
	})
}

// canReadWorker allows workers their own figures and supervisors anyone's.
func canReadWorker(actor auth.Actor, workerID int64) error {
	if actor.WorkerID == workerID && workerID != 0 {
		return nil
	}
	return auth.Service{}.RequireRole(actor, "read worker time", domain.RolePM, domain.RoleLeader)
}

func registerWork(api huma.API, e engine.Engine, sessions Sessions) {
	huma.Register(api, huma.Operation{
		OperationID: "work-summary",
		Method:      http.MethodGet,
		Path:        "/workers/{worker_id}/deliverables/{deliverable_id}/summary",
		Summary:     "Accumulated time of a worker on a deliverable",
		Errors:      []int{http.StatusForbidden, http.StatusNotFound, http.StatusServiceUnavailable},
	}, func(ctx context.Context, input *struct {
		WorkerID      int64 `path:"worker_id"`
		DeliverableID int64 `path:"deliverable_id"`
	}) (*struct {
		Body worksession.Summary `json:"body"`
	}, error) {
		actor, authErr := actorFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		if err := canReadWorker(actor, input.WorkerID); err != nil {
			return nil, handleError(err)
		}
		if sessions == nil {
			return nil, newAPIError(http.StatusServiceUnavailable, "unavailable", "work sessions not configured", nil)
		}
		sum, err := sessions.Summary(ctx, input.WorkerID, input.DeliverableID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body worksession.Summary `json:"body"`
		}{Body: sum}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "weekly-timesheet",
		Method:      http.MethodGet,
		Path:        "/workers/{worker_id}/timesheet",
		Summary:     "Closed working time of a worker over a Monday-start week",
		Errors:      []int{http.StatusBadRequest, http.StatusForbidden},
	}, func(ctx context.Context, input *struct {
		WorkerID int64  `path:"worker_id"`
		Week     string `query:"week" example:"2024-03-04"`
	}) (*struct {
		Body domain.Timesheet `json:"body"`
	}, error) {
		actor, authErr := actorFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		if err := canReadWorker(actor, input.WorkerID); err != nil {
			return nil, handleError(err)
		}
		day := time.Now()
		if input.Week != "" {
			parsed, err := time.Parse(time.DateOnly, input.Week)
			if err != nil {
				return nil, handleError(domain.ValidationError{Field: "week", Reason: "expected YYYY-MM-DD"})
			}
			day = parsed
		}
		ts, err := worksession.Timesheet(ctx, e.Repo, input.WorkerID, day)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.Timesheet `json:"body"`
		}{Body: ts}, nil
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

func registerEvents(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "list-events",
		Method:      http.MethodGet,
		Path:        "/events",
		Summary:     "List recent timeline events, newest first",
		Errors:      []int{http.StatusBadRequest, http.StatusForbidden},
	}, func(ctx context.Context, input *struct {
		DeliverableID int64  `query:"deliverable_id"`
		EntityKind    string `query:"entity_kind" enum:"deliverable,stage,task,session"`
		EntityID      string `query:"entity_id"`
		Type          string `query:"type"`
		Limit         int    `query:"limit" default:"50"`
		Cursor        int64  `query:"cursor"`
	}) (*struct {
		Body EventListResponse `json:"body"`
	}, error) {
		actor, authErr := actorFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		if err := (auth.Service{}).RequireRole(actor, "read events", domain.RolePM, domain.RoleLeader); err != nil {
			return nil, handleError(err)
		}
		limit := normalizeLimit(input.Limit)
		items, err := events.Recent(ctx, e.DB, limit+1, events.Filter{
			EntityKind:    input.EntityKind,
			EntityID:      input.EntityID,
			DeliverableID: input.DeliverableID,
			Type:          input.Type,
			BeforeID:      input.Cursor,
		})
		if err != nil {
			return nil, handleError(err)
		}
		resp := EventListResponse{Items: []domain.Event{}}
		if len(items) > limit {
			resp.NextCursor = items[limit-1].ID
			items = items[:limit]
		}
		resp.Items = append(resp.Items, items...)
		return &struct {
			Body EventListResponse `json:"body"`
		}{Body: resp}, nil
	})
}

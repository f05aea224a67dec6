package server

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"path"
	"strconv"
	"strings"

	"github.com/danielgtaylor/huma/v2"
	humachi "github.com/danielgtaylor/huma/v2/adapters/humachi"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/juju/loggo"

	"observatorio/internal/domain"
	"observatorio/internal/engine"
	"observatorio/internal/engine/auth"
	"observatorio/internal/repo"
	"observatorio/internal/workflow"
)

var logger = loggo.GetLogger("observatorio.server")

const DefaultBasePath = "/api"

// Config for the HTTP API handler.
type Config struct {
	Engine   engine.Engine
	BasePath string
	Auth     AuthConfig
	// Metrics is optional; when nil a private registry is used.
	Metrics *Metrics
}

type apiErrorBody struct {
	Code    string         `json:"code" example:"invalid_transition"`
	Message string         `json:"message" example:"cannot approve a delivery that is already Aprovado"`
	Details map[string]any `json:"details,omitempty" jsonschema:"type=object,additionalProperties=true"`
}

// apiError models the error envelope returned by every route.
type apiError struct {
	status int
	Body   apiErrorBody `json:"error"`
}

func (e *apiError) GetStatus() int { return e.status }
func (e *apiError) Error() string  { return e.Body.Message }

// New returns an HTTP handler exposing the delivery API.
func New(cfg Config) (http.Handler, error) {
	basePath := cfg.BasePath
	if basePath == "" {
		basePath = DefaultBasePath
	}
	if !strings.HasPrefix(basePath, "/") {
		basePath = "/" + basePath
	}
	if strings.TrimSpace(cfg.Auth.JWTSecret) == "" {
		return nil, errors.New("jwt secret is required")
	}
	metrics := cfg.Metrics
	if metrics == nil {
		metrics = NewMetrics(nil)
	}
	huma.DefaultArrayNullable = false
	huma.NewError = func(status int, msg string, errs ...error) huma.StatusError {
		return newAPIError(status, "", msg, nil)
	}
	huma.NewErrorWithContext = func(_ huma.Context, status int, msg string, errs ...error) huma.StatusError {
		if status == http.StatusUnprocessableEntity && strings.Contains(strings.ToLower(msg), "validation") {
			status = http.StatusBadRequest
		}
		var details map[string]any
		if len(errs) > 0 {
			details = map[string]any{"errors": errs}
		}
		return newAPIError(status, "", msg, details)
	}

	router := chi.NewRouter()
	router.Use(middleware.Recoverer)
	router.Use(metrics.middleware)
	router.Use(newAuthMiddleware(basePath, cfg.Auth))
	hcfg := huma.DefaultConfig("Observatorio API", "1.0.0")
	hcfg.OpenAPIPath = ""
	hcfg.DocsPath = ""
	api := humachi.New(router, hcfg)
	group := huma.NewGroup(api, basePath)

	registerHealth(group)
	registerAuth(group, cfg.Engine, cfg.Auth)
	registerGoals(group, cfg.Engine, metrics)
	registerReference(group, cfg.Engine)
	registerEvents(group, cfg.Engine)
	registerDocs(router, api, basePath)
	router.Handle(path.Join(basePath, "metrics"), metrics.Handler())

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
	var fe workflow.ForbiddenError
	if errors.As(err, &fe) {
		return newAPIError(http.StatusForbidden, "forbidden", err.Error(), map[string]any{"action": string(fe.Action), "role": string(fe.Role)})
	}
	var te workflow.TransitionError
	if errors.As(err, &te) {
		return newAPIError(http.StatusConflict, "invalid_transition", err.Error(), map[string]any{"from": te.From.String(), "action": string(te.Action)})
	}
	var pe workflow.PreconditionError
	if errors.As(err, &pe) {
		return newAPIError(http.StatusConflict, "precondition_failed", err.Error(), map[string]any{"status": pe.Status.String(), "action": string(pe.Action)})
	}
	var na auth.NoAccessError
	if errors.As(err, &na) {
		return newAPIError(http.StatusForbidden, "no_access", err.Error(), nil)
	}
	if errors.Is(err, auth.ErrInvalidCredentials) {
		return newAPIError(http.StatusUnauthorized, "invalid_credentials", err.Error(), nil)
	}
	var ve engine.ValidationError
	if errors.As(err, &ve) {
		return newAPIError(http.StatusBadRequest, "bad_request", err.Error(), map[string]any{"field": ve.Field})
	}
	if errors.Is(err, repo.ErrNotFound) {
		return newAPIError(http.StatusNotFound, "not_found", err.Error(), nil)
	}
	logger.Errorf("unhandled error: %v", err)
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
	case http.StatusUnprocessableEntity:
		return "validation_failed"
	case http.StatusForbidden:
		return "forbidden"
	case http.StatusInternalServerError:
		return "internal_error"
	default:
		return strings.ToLower(strings.ReplaceAll(http.StatusText(status), " ", "_"))
	}
}

// actorFromRequest resolves the caller's current profile. Roles are looked up
// on every request so that a revoked profile takes effect immediately.
func actorFromRequest(ctx context.Context, e engine.Engine) (engine.Actor, error) {
	principal, authErr := principalFromRequest(ctx)
	if authErr != nil {
		return engine.Actor{}, authErr
	}
	role, err := e.Auth.Role(ctx, principal.UserID)
	if err != nil {
		return engine.Actor{}, err
	}
	return engine.Actor{ID: principal.UserID, Role: role}, nil
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

func registerAuth(api huma.API, e engine.Engine, authCfg AuthConfig) {
	issue := func(ctx context.Context, u repo.User, withProfiles bool) (*struct {
		Body LoginResponse `json:"body"`
	}, error) {
		token, expires, err := signToken(authCfg, u)
		if err != nil {
			return nil, newAPIError(http.StatusInternalServerError, "internal_error", err.Error(), nil)
		}
		resp := LoginResponse{JWT: token, ExpiresAt: formatExpiry(expires), User: userResponse(u)}
		if withProfiles {
			roles, err := e.Auth.Profiles(ctx, u.ID)
			if err != nil {
				return nil, handleError(err)
			}
			resp.Perfis = rolesResponse(roles)
		}
		return &struct {
			Body LoginResponse `json:"body"`
		}{Body: resp}, nil
	}

	huma.Register(api, huma.Operation{
		OperationID: "password-login",
		Method:      http.MethodPost,
		Path:        "/Auth/login",
		Summary:     "Authenticate with login and password",
		Errors:      []int{http.StatusBadRequest, http.StatusUnauthorized},
	}, func(ctx context.Context, input *struct {
		Body PasswordLoginRequest `json:"body"`
	}) (*struct {
		Body LoginResponse `json:"body"`
	}, error) {
		login := strings.TrimSpace(input.Body.Login)
		if login == "" || input.Body.Password == "" {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "login and password are required", nil)
		}
		u, err := e.Authenticate(ctx, login, input.Body.Password)
		if err != nil {
			return nil, handleError(err)
		}
		return issue(ctx, u, false)
	})

	huma.Register(api, huma.Operation{
		OperationID: "verify-access",
		Method:      http.MethodGet,
		Path:        "/Auth/verify-access/{user_id}",
		Summary:     "List the profiles of a user",
		Errors:      []int{http.StatusUnauthorized, http.StatusForbidden},
	}, func(ctx context.Context, input *struct {
		UserID string `path:"user_id"`
	}) (*struct {
		Body AccessResponse `json:"body"`
	}, error) {
		principal, authErr := principalFromRequest(ctx)
		if authErr != nil {
			return nil, authErr
		}
		if principal.UserID != input.UserID {
			return nil, newAPIError(http.StatusForbidden, "forbidden", "token does not belong to this user", nil)
		}
		roles, err := e.Auth.Profiles(ctx, input.UserID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body AccessResponse `json:"body"`
		}{Body: AccessResponse{Perfis: rolesResponse(roles)}}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "send-login-code",
		Method:      http.MethodPost,
		Path:        "/Login/email",
		Summary:     "Send a one-time login code by email",
		Errors:      []int{http.StatusBadRequest, http.StatusUnauthorized},
	}, func(ctx context.Context, input *struct {
		Body SendCodeRequest `json:"body"`
	}) (*struct {
		Body MessageResponse `json:"body"`
	}, error) {
		email := strings.TrimSpace(input.Body.Email)
		if email == "" {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "email is required", nil)
		}
		if err := e.IssueCode(ctx, email); err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body MessageResponse `json:"body"`
		}{Body: MessageResponse{Message: "code sent"}}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "validate-login-code",
		Method:      http.MethodPost,
		Path:        "/Login/validate",
		Summary:     "Exchange a one-time code for a token",
		Errors:      []int{http.StatusBadRequest, http.StatusUnauthorized, http.StatusForbidden},
	}, func(ctx context.Context, input *struct {
		Body ValidateCodeRequest `json:"body"`
	}) (*struct {
		Body LoginResponse `json:"body"`
	}, error) {
		email := strings.TrimSpace(input.Body.Email)
		code := strings.TrimSpace(input.Body.CodeHash)
		if email == "" || code == "" {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "email and codeHash are required", nil)
		}
		u, err := e.ValidateCode(ctx, email, code)
		if err != nil {
			return nil, handleError(err)
		}
		return issue(ctx, u, true)
	})
}

type goalPath struct {
	ID int64 `path:"id"`
}

type goalBody struct {
	Body GoalResponse `json:"body"`
}

func registerGoals(api huma.API, e engine.Engine, metrics *Metrics) {
	huma.Register(api, huma.Operation{
		OperationID: "list-goals",
		Method:      http.MethodGet,
		Path:        "/Goal",
		Summary:     "List deliveries",
		Errors:      []int{http.StatusBadRequest, http.StatusUnauthorized},
	}, func(ctx context.Context, input *struct {
		Status int `query:"statusId" doc:"filter by status id"`
		Type   int `query:"typeId" doc:"filter by type id"`
	}) (*struct {
		Body []GoalResponse `json:"body"`
	}, error) {
		var f repo.GoalFilters
		if input.Status != 0 {
			s := domain.Status(input.Status)
			if !s.Valid() {
				return nil, newAPIError(http.StatusBadRequest, "bad_request", "invalid statusId", map[string]any{"statusId": input.Status})
			}
			f.Status = s
		}
		if input.Type != 0 {
			t := domain.Type(input.Type)
			if !t.Valid() {
				return nil, newAPIError(http.StatusBadRequest, "bad_request", "invalid typeId", map[string]any{"typeId": input.Type})
			}
			f.Type = t
		}
		items, err := e.Repo.ListGoals(ctx, f)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body []GoalResponse `json:"body"`
		}{Body: mapGoals(items)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-goal",
		Method:      http.MethodGet,
		Path:        "/Goal/{id}",
		Summary:     "Get a delivery",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *goalPath) (*goalBody, error) {
		g, err := e.Repo.GetGoal(ctx, input.ID)
		if err != nil {
			return nil, handleError(err)
		}
		return &goalBody{Body: goalResponse(g)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID:   "create-goal",
		Method:        http.MethodPost,
		Path:          "/Goal",
		Summary:       "Register a delivery",
		DefaultStatus: http.StatusCreated,
		Errors:        []int{http.StatusBadRequest, http.StatusForbidden},
	}, func(ctx context.Context, input *struct {
		Body GoalRequest `json:"body"`
	}) (*goalBody, error) {
		actor, err := actorFromRequest(ctx, e)
		if err != nil {
			return nil, handleError(err)
		}
		in, err := goalInput(input.Body)
		if err != nil {
			return nil, handleError(err)
		}
		g, err := e.CreateGoal(ctx, in, actor)
		if err != nil {
			return nil, handleError(err)
		}
		return &goalBody{Body: goalResponse(g)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "update-goal",
		Method:      http.MethodPut,
		Path:        "/Goal/{id}",
		Summary:     "Edit a pending delivery",
		Errors:      []int{http.StatusBadRequest, http.StatusForbidden, http.StatusNotFound, http.StatusConflict},
	}, func(ctx context.Context, input *struct {
		ID   int64       `path:"id"`
		Body GoalRequest `json:"body"`
	}) (*goalBody, error) {
		if input.Body.ID != nil && *input.Body.ID != input.ID {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "body id does not match path", map[string]any{"id": *input.Body.ID})
		}
		actor, err := actorFromRequest(ctx, e)
		if err != nil {
			return nil, handleError(err)
		}
		in, err := goalInput(input.Body)
		if err != nil {
			return nil, handleError(err)
		}
		g, err := e.UpdateGoal(ctx, input.ID, in, actor)
		if err != nil {
			return nil, handleError(err)
		}
		return &goalBody{Body: goalResponse(g)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID:   "delete-goal",
		Method:        http.MethodDelete,
		Path:          "/Goal/{id}",
		Summary:       "Delete a rejected delivery",
		DefaultStatus: http.StatusNoContent,
		Errors:        []int{http.StatusForbidden, http.StatusNotFound, http.StatusConflict},
	}, func(ctx context.Context, input *goalPath) (*struct{}, error) {
		actor, err := actorFromRequest(ctx, e)
		if err != nil {
			return nil, handleError(err)
		}
		if err := e.DeleteGoal(ctx, input.ID, actor); err != nil {
			return nil, handleError(err)
		}
		metrics.observeAction(workflow.ActionDelete)
		return &struct{}{}, nil
	})

	for _, action := range []workflow.Action{workflow.ActionApprove, workflow.ActionReject} {
		action := action
		huma.Register(api, huma.Operation{
			OperationID: string(action) + "-goal",
			Method:      http.MethodPut,
			Path:        "/Goal/{id}/" + string(action),
			Summary:     strings.ToUpper(string(action[:1])) + string(action[1:]) + " a delivery",
			Errors:      []int{http.StatusForbidden, http.StatusNotFound, http.StatusConflict},
		}, func(ctx context.Context, input *goalPath) (*goalBody, error) {
			actor, err := actorFromRequest(ctx, e)
			if err != nil {
				return nil, handleError(err)
			}
			g, err := e.TransitionGoal(ctx, input.ID, action, actor)
			if err != nil {
				return nil, handleError(err)
			}
			metrics.observeAction(action)
			return &goalBody{Body: goalResponse(g)}, nil
		})
	}
}

func registerReference(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "list-squads",
		Method:      http.MethodGet,
		Path:        "/squad",
		Summary:     "List squads",
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body []NamedResponse `json:"body"`
	}, error) {
		squads, err := e.Repo.ListSquads(ctx)
		if err != nil {
			return nil, handleError(err)
		}
		out := make([]NamedResponse, 0, len(squads))
		for _, s := range squads {
			out = append(out, NamedResponse{ID: s.ID, Name: s.Name})
		}
		return &struct {
			Body []NamedResponse `json:"body"`
		}{Body: out}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-customers",
		Method:      http.MethodGet,
		Path:        "/customer",
		Summary:     "List customers",
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body []NamedResponse `json:"body"`
	}, error) {
		customers, err := e.Repo.ListCustomers(ctx)
		if err != nil {
			return nil, handleError(err)
		}
		out := make([]NamedResponse, 0, len(customers))
		for _, c := range customers {
			out = append(out, NamedResponse{ID: c.ID, Name: c.Name})
		}
		return &struct {
			Body []NamedResponse `json:"body"`
		}{Body: out}, nil
	})
}

type EventResponse struct {
	ID         int64           `json:"id"`
	TS         string          `json:"ts"`
	Type       string          `json:"type"`
	EntityKind string          `json:"entity_kind"`
	EntityID   string          `json:"entity_id,omitempty"`
	ActorID    string          `json:"actor_id"`
	Payload    json.RawMessage `json:"payload,omitempty"`
}

type paginatedEvents struct {
	Items      []EventResponse `json:"items"`
	NextCursor string          `json:"next_cursor,omitempty"`
}

func eventResponse(evt domain.Event) EventResponse {
	resp := EventResponse{
		ID:         evt.ID,
		TS:         evt.TS,
		Type:       evt.Type,
		EntityKind: evt.EntityKind,
		EntityID:   evt.EntityID,
		ActorID:    evt.ActorID,
	}
	if evt.Payload != "" && json.Valid([]byte(evt.Payload)) {
		resp.Payload = json.RawMessage(evt.Payload)
	}
	return resp
}

func registerEvents(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "list-events",
		Method:      http.MethodGet,
		Path:        "/events",
		Summary:     "List recent audit events",
		Errors:      []int{http.StatusBadRequest, http.StatusForbidden},
	}, func(ctx context.Context, input *struct {
		Type       string `query:"type"`
		EntityKind string `query:"entity_kind"`
		EntityID   string `query:"entity_id"`
		Limit      int    `query:"limit" default:"50"`
		Cursor     string `query:"cursor"`
	}) (*struct {
		Body paginatedEvents `json:"body"`
	}, error) {
		actor, err := actorFromRequest(ctx, e)
		if err != nil {
			return nil, handleError(err)
		}
		if actor.Role != domain.RoleApprover {
			return nil, newAPIError(http.StatusForbidden, "forbidden", "audit log requires the approver profile", nil)
		}
		limit := normalizeLimit(input.Limit)
		f := repo.EventFilters{Type: input.Type, EntityKind: input.EntityKind, EntityID: input.EntityID}
		if input.Cursor != "" {
			parsed, err := strconv.ParseInt(input.Cursor, 10, 64)
			if err != nil {
				return nil, newAPIError(http.StatusBadRequest, "bad_request", "invalid cursor", map[string]any{"cursor": input.Cursor})
			}
			f.Before = parsed
		}
		items, err := e.Repo.LatestEvents(ctx, limit+1, f)
		if err != nil {
			return nil, handleError(err)
		}
		resp := paginatedEvents{Items: []EventResponse{}}
		if len(items) > limit {
			items = items[:limit]
			resp.NextCursor = strconv.FormatInt(items[limit-1].ID, 10)
		}
		for _, evt := range items {
			resp.Items = append(resp.Items, eventResponse(evt))
		}
		return &struct {
			Body paginatedEvents `json:"body"`
		}{Body: resp}, nil
	})
}

func normalizeLimit(in int) int {
	if in <= 0 {
		return 50
	}
	if in > 500 {
		return 500
	}
	return in
}

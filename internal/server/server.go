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

	"github.com/danielgtaylor/huma/v2"
	humachi "github.com/danielgtaylor/huma/v2/adapters/humachi"
	"github.com/go-chi/chi/v5"

	"goalline/internal/dateutil"
	"goalline/internal/engine"
	"goalline/internal/recur"
	"goalline/internal/repo"
)

// Config for the HTTP API handler.
type Config struct {
	Engine   engine.Engine
	BasePath string
	Auth     AuthConfig
}

type apiErrorBody struct {
	Code    string         `json:"code" example:"invalid_transition"`
	Message string         `json:"message" example:"invalid letter transition draft -> approved"`
	Details map[string]any `json:"details,omitempty" jsonschema:"type=object,additionalProperties=true" example:"{\"status\":\"draft\"}"`
}

type requestKey struct{}
type bodyBytesKey struct{}

// apiError models the required error envelope.
type apiError struct {
	status int
	Body   apiErrorBody `json:"error"`
}

func (e *apiError) GetStatus() int { return e.status }
func (e *apiError) Error() string  { return e.Body.Message }

// New returns an HTTP handler exposing the Goalline API.
func New(cfg Config) (http.Handler, error) {
	basePath := cfg.BasePath
	if basePath == "" {
		basePath = "/v0"
	}
	if !strings.HasPrefix(basePath, "/") {
		basePath = "/" + basePath
	}
	huma.DefaultArrayNullable = false
	// Override Huma errors to use the requested envelope.
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
	router.Use(func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			bodyBytes, _ := io.ReadAll(r.Body)
			r.Body = io.NopCloser(bytes.NewBuffer(bodyBytes))
			ctx := context.WithValue(r.Context(), requestKey{}, r)
			ctx = context.WithValue(ctx, bodyBytesKey{}, bodyBytes)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	})
	router.Use(newAuthMiddleware(basePath, cfg.Auth, cfg.Engine.Repo))
	hcfg := huma.DefaultConfig("Goalline API", "0.1.0")
	hcfg.OpenAPIPath = "/openapi"
	hcfg.DocsPath = "" // custom Swagger UI below
	api := humachi.New(router, hcfg)
	group := huma.NewGroup(api, basePath)

	registerDocs(router, basePath)
	registerHealth(group)
	registerConfig(group, cfg.Engine)
	registerLetters(group, cfg.Engine)
	registerGoals(group, cfg.Engine)
	registerActions(group, cfg.Engine)
	registerMaterialize(group, cfg.Engine)
	registerOccurrences(group, cfg.Engine)
	registerEvents(group, cfg.Engine)
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
	var ite engine.InvalidTransitionError
	if errors.As(err, &ite) {
		return newAPIError(http.StatusUnprocessableEntity, "invalid_transition", err.Error(), map[string]any{
			"entity": ite.Entity,
			"from":   ite.From,
			"to":     ite.To,
		})
	}
	var ce engine.ConflictError
	if errors.As(err, &ce) {
		return newAPIError(http.StatusConflict, "conflict", err.Error(), nil)
	}
	var ve recur.ValidationError
	if errors.As(err, &ve) {
		return newAPIError(http.StatusBadRequest, "invalid_rule", err.Error(), nil)
	}
	if errors.Is(err, engine.ErrNotApproved) {
		return newAPIError(http.StatusConflict, "letter_not_approved", err.Error(), nil)
	}
	if errors.Is(err, engine.ErrPostponeLimit) {
		return newAPIError(http.StatusUnprocessableEntity, "postpone_limit", err.Error(), nil)
	}
	if errors.Is(err, repo.ErrNotFound) {
		return newAPIError(http.StatusNotFound, "not_found", err.Error(), nil)
	}
	msg := err.Error()
	lowered := strings.ToLower(msg)
	switch {
	case strings.Contains(lowered, "already has approved letter"),
		strings.Contains(lowered, "unique constraint"),
		strings.Contains(lowered, "has no goal"):
		return newAPIError(http.StatusConflict, "conflict", msg, nil)
	case strings.Contains(lowered, "invalid") || strings.Contains(lowered, "unknown") || strings.Contains(lowered, "required"):
		return newAPIError(http.StatusBadRequest, "bad_request", msg, nil)
	default:
		return newAPIError(http.StatusInternalServerError, "internal_error", "internal error", map[string]any{"error": msg})
	}
}

func defaultCodeForStatus(status int) string {
	switch status {
	case http.StatusBadRequest:
		return "bad_request"
	case http.StatusNotFound:
		return "not_found"
	case http.StatusConflict:
		return "conflict"
	case http.StatusUnprocessableEntity:
		return "validation_failed"
	case http.StatusInternalServerError:
		return "internal_error"
	default:
		return strings.ToLower(strings.ReplaceAll(http.StatusText(status), " ", "_"))
	}
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
	oas.Components.SecuritySchemes["apiKeyAuth"] = &huma.SecurityScheme{
		Type: "apiKey",
		In:   "header",
		Name: "X-Api-Key",
	}
	security := []map[string][]string{
		{"bearerAuth": {}},
		{"apiKeyAuth": {}},
	}
	oas.Security = security
	healthPath := path.Join(basePath, "health")
	if !strings.HasPrefix(healthPath, "/") {
		healthPath = "/" + healthPath
	}
	for route, item := range oas.Paths {
		for _, op := range []*huma.Operation{
			item.Get, item.Put, item.Post, item.Delete, item.Options, item.Head, item.Patch, item.Trace,
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
    <title>Goalline API Docs</title>
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
      Authenticate with Authorization: Bearer &lt;token&gt; or X-Api-Key.
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

func registerConfig(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "get-config",
		Method:      http.MethodGet,
		Path:        "/config",
		Summary:     "Get engine config",
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body ConfigResponse `json:"body"`
	}, error) {
		if e.Config == nil {
			return nil, newAPIError(http.StatusInternalServerError, "internal_error", "config not loaded", nil)
		}
		return &struct {
			Body ConfigResponse `json:"body"`
		}{Body: configResponse(e.Config)}, nil
	})
}

func registerLetters(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID:   "create-letter",
		Method:        http.MethodPost,
		Path:          "/letters",
		Summary:       "Create goal letter",
		DefaultStatus: http.StatusCreated,
		Errors: []int{
			http.StatusBadRequest,
			http.StatusConflict,
			http.StatusInternalServerError,
		},
	}, func(ctx context.Context, input *struct {
		Body CreateLetterRequest `json:"body"`
	}) (*struct {
		Body LetterResponse `json:"body"`
	}, error) {
		if len(bodyBytes(ctx)) == 0 {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "body required", nil)
		}
		if input.Body.PersonID == "" {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "person_id is required", nil)
		}
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		l, err := e.CreateLetter(ctx, stringOrEmpty(input.Body.ID), input.Body.PersonID, actorID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body LetterResponse `json:"body"`
		}{Body: letterResponse(l)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-letters",
		Method:      http.MethodGet,
		Path:        "/letters",
		Summary:     "List goal letters",
		Errors:      []int{http.StatusBadRequest},
	}, func(ctx context.Context, input *struct {
		PersonID string `query:"person_id"`
	}) (*struct {
		Body []LetterResponse `json:"body"`
	}, error) {
		items, err := e.Repo.ListLetters(ctx, input.PersonID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body []LetterResponse `json:"body"`
		}{Body: mapLetters(items)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-letter",
		Method:      http.MethodGet,
		Path:        "/letters/{letter_id}",
		Summary:     "Get goal letter",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		LetterID string `path:"letter_id"`
	}) (*struct {
		Body LetterResponse `json:"body"`
	}, error) {
		l, err := e.Repo.GetLetter(ctx, input.LetterID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body LetterResponse `json:"body"`
		}{Body: letterResponse(l)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "submit-letter",
		Method:      http.MethodPost,
		Path:        "/letters/{letter_id}/submit",
		Summary:     "Submit letter for review",
		Errors: []int{
			http.StatusNotFound,
			http.StatusConflict,
			http.StatusUnprocessableEntity,
		},
	}, func(ctx context.Context, input *struct {
		LetterID string `path:"letter_id"`
	}) (*struct {
		Body LetterResponse `json:"body"`
	}, error) {
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		l, err := e.SubmitLetter(ctx, input.LetterID, actorID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body LetterResponse `json:"body"`
		}{Body: letterResponse(l)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "approve-letter",
		Method:      http.MethodPost,
		Path:        "/letters/{letter_id}/approve",
		Summary:     "Approve letter and materialize occurrences",
		Errors: []int{
			http.StatusNotFound,
			http.StatusConflict,
			http.StatusUnprocessableEntity,
			http.StatusInternalServerError,
		},
	}, func(ctx context.Context, input *struct {
		LetterID string `path:"letter_id"`
	}) (*struct {
		Body ApproveResponse `json:"body"`
	}, error) {
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		l, res, err := e.ApproveLetter(ctx, input.LetterID, actorID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body ApproveResponse `json:"body"`
		}{Body: ApproveResponse{
			Letter:          letterResponse(l),
			Materialization: materializeResponse(res),
		}}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "request-changes",
		Method:      http.MethodPost,
		Path:        "/letters/{letter_id}/request-changes",
		Summary:     "Send letter back for edits",
		Errors: []int{
			http.StatusNotFound,
			http.StatusUnprocessableEntity,
		},
	}, func(ctx context.Context, input *struct {
		LetterID string `path:"letter_id"`
	}) (*struct {
		Body RetractResponse `json:"body"`
	}, error) {
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		l, removed, err := e.RequestChanges(ctx, input.LetterID, actorID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body RetractResponse `json:"body"`
		}{Body: RetractResponse{Letter: letterResponse(l), Removed: removed}}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "reopen-letter",
		Method:      http.MethodPost,
		Path:        "/letters/{letter_id}/reopen",
		Summary:     "Pull approved letter back to draft",
		Errors: []int{
			http.StatusNotFound,
			http.StatusUnprocessableEntity,
		},
	}, func(ctx context.Context, input *struct {
		LetterID string `path:"letter_id"`
	}) (*struct {
		Body RetractResponse `json:"body"`
	}, error) {
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		l, removed, err := e.ReopenLetter(ctx, input.LetterID, actorID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body RetractResponse `json:"body"`
		}{Body: RetractResponse{Letter: letterResponse(l), Removed: removed}}, nil
	})
}

func registerGoals(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "set-goal",
		Method:      http.MethodPut,
		Path:        "/letters/{letter_id}/goals/{area}",
		Summary:     "Create or replace an area goal",
		Errors: []int{
			http.StatusBadRequest,
			http.StatusNotFound,
		},
	}, func(ctx context.Context, input *struct {
		LetterID string         `path:"letter_id"`
		Area     string         `path:"area"`
		Body     SetGoalRequest `json:"body"`
	}) (*struct {
		Body GoalResponse `json:"body"`
	}, error) {
		if len(bodyBytes(ctx)) == 0 {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "body required", nil)
		}
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		g, err := e.SetAreaGoal(ctx, input.LetterID, input.Area, input.Body.Target, actorID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body GoalResponse `json:"body"`
		}{Body: goalResponse(g)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-goals",
		Method:      http.MethodGet,
		Path:        "/letters/{letter_id}/goals",
		Summary:     "List area goals",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		LetterID string `path:"letter_id"`
	}) (*struct {
		Body []GoalResponse `json:"body"`
	}, error) {
		if _, err := e.Repo.GetLetter(ctx, input.LetterID); err != nil {
			return nil, handleError(err)
		}
		items, err := e.Repo.ListGoals(ctx, input.LetterID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body []GoalResponse `json:"body"`
		}{Body: mapGoals(items)}, nil
	})
}

func registerActions(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID:   "create-action",
		Method:        http.MethodPost,
		Path:          "/goals/{goal_id}/actions",
		Summary:       "Declare a recurring action",
		DefaultStatus: http.StatusCreated,
		Errors: []int{
			http.StatusBadRequest,
			http.StatusNotFound,
			http.StatusInternalServerError,
		},
	}, func(ctx context.Context, input *struct {
		GoalID string              `path:"goal_id"`
		Body   CreateActionRequest `json:"body"`
	}) (*struct {
		Body ActionResponse `json:"body"`
	}, error) {
		if len(bodyBytes(ctx)) == 0 {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "body required", nil)
		}
		if input.Body.Text == "" {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "text is required", nil)
		}
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		opts := engine.ActionCreateOptions{
			ID:        stringOrEmpty(input.Body.ID),
			GoalID:    input.GoalID,
			Text:      input.Body.Text,
			Frequency: input.Body.Frequency,
			Weekdays:  input.Body.Weekdays,
			OnceDate:  stringOrEmpty(input.Body.OnceDate),
			ActorID:   actorID,
		}
		if input.Body.RequiresEvidence != nil {
			opts.RequiresEvidence = *input.Body.RequiresEvidence
		}
		a, err := e.CreateAction(ctx, opts)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body ActionResponse `json:"body"`
		}{Body: actionResponse(a)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-actions",
		Method:      http.MethodGet,
		Path:        "/letters/{letter_id}/actions",
		Summary:     "List a letter's actions",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		LetterID string `path:"letter_id"`
	}) (*struct {
		Body []ActionResponse `json:"body"`
	}, error) {
		if _, err := e.Repo.GetLetter(ctx, input.LetterID); err != nil {
			return nil, handleError(err)
		}
		items, err := e.Repo.ListActionsByLetter(ctx, input.LetterID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body []ActionResponse `json:"body"`
		}{Body: mapActions(items)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "update-action",
		Method:      http.MethodPatch,
		Path:        "/actions/{action_id}",
		Summary:     "Edit an action's rule",
		Errors: []int{
			http.StatusBadRequest,
			http.StatusNotFound,
		},
	}, func(ctx context.Context, input *struct {
		ActionID string              `path:"action_id"`
		Body     UpdateActionRequest `json:"body"`
	}) (*struct {
		Body ActionResponse `json:"body"`
	}, error) {
		if len(bodyBytes(ctx)) == 0 {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "body required", nil)
		}
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		a, err := e.UpdateAction(ctx, engine.ActionUpdateOptions{
			ID:               input.ActionID,
			Text:             input.Body.Text,
			Frequency:        input.Body.Frequency,
			Weekdays:         input.Body.Weekdays,
			OnceDate:         input.Body.OnceDate,
			RequiresEvidence: input.Body.RequiresEvidence,
			ActorID:          actorID,
		})
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body ActionResponse `json:"body"`
		}{Body: actionResponse(a)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "revoke-action",
		Method:      http.MethodDelete,
		Path:        "/actions/{action_id}",
		Summary:     "Revoke action, keeping its history",
		Errors: []int{
			http.StatusNotFound,
			http.StatusInternalServerError,
		},
	}, func(ctx context.Context, input *struct {
		ActionID string `path:"action_id"`
	}) (*struct {
		Body RevokeActionResponse `json:"body"`
	}, error) {
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		removed, err := e.RevokeAction(ctx, input.ActionID, actorID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body RevokeActionResponse `json:"body"`
		}{Body: RevokeActionResponse{Removed: removed}}, nil
	})
}

func registerMaterialize(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "materialize",
		Method:      http.MethodPost,
		Path:        "/letters/{letter_id}/materialize",
		Summary:     "Reconcile occurrences over a window",
		Errors: []int{
			http.StatusBadRequest,
			http.StatusNotFound,
			http.StatusConflict,
			http.StatusInternalServerError,
		},
	}, func(ctx context.Context, input *struct {
		LetterID string             `path:"letter_id"`
		Body     MaterializeRequest `json:"body"`
	}) (*struct {
		Body MaterializeResponse `json:"body"`
	}, error) {
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		w, err := windowFromRequest(input.Body)
		if err != nil {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", err.Error(), nil)
		}
		res, err := e.Materialize(ctx, input.LetterID, w, actorID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body MaterializeResponse `json:"body"`
		}{Body: materializeResponse(res)}, nil
	})
}

func registerOccurrences(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "list-occurrences",
		Method:      http.MethodGet,
		Path:        "/occurrences",
		Summary:     "List a person's occurrences by date range",
		Errors:      []int{http.StatusBadRequest},
	}, func(ctx context.Context, input *struct {
		PersonID string `query:"person_id"`
		From     string `query:"from"`
		To       string `query:"to"`
	}) (*struct {
		Body []OccurrenceResponse `json:"body"`
	}, error) {
		items, err := e.ListOccurrences(ctx, input.PersonID, input.From, input.To)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body []OccurrenceResponse `json:"body"`
		}{Body: mapOccurrences(items)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-occurrence",
		Method:      http.MethodGet,
		Path:        "/occurrences/{occurrence_id}",
		Summary:     "Get occurrence",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		OccurrenceID string `path:"occurrence_id"`
	}) (*struct {
		Body OccurrenceResponse `json:"body"`
	}, error) {
		o, err := e.Repo.GetOccurrence(ctx, input.OccurrenceID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body OccurrenceResponse `json:"body"`
		}{Body: occurrenceResponse(o)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "postpone-occurrence",
		Method:      http.MethodPost,
		Path:        "/occurrences/{occurrence_id}/postpone",
		Summary:     "Move an occurrence's due date",
		Errors: []int{
			http.StatusBadRequest,
			http.StatusNotFound,
			http.StatusConflict,
			http.StatusUnprocessableEntity,
		},
	}, func(ctx context.Context, input *struct {
		OccurrenceID string          `path:"occurrence_id"`
		Body         PostponeRequest `json:"body"`
	}) (*struct {
		Body OccurrenceResponse `json:"body"`
	}, error) {
		if len(bodyBytes(ctx)) == 0 {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "body required", nil)
		}
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		o, err := e.Postpone(ctx, input.OccurrenceID, input.Body.NewDate, actorID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body OccurrenceResponse `json:"body"`
		}{Body: occurrenceResponse(o)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "complete-occurrence",
		Method:      http.MethodPost,
		Path:        "/occurrences/{occurrence_id}/complete",
		Summary:     "Mark occurrence done",
		Errors: []int{
			http.StatusNotFound,
			http.StatusConflict,
			http.StatusUnprocessableEntity,
		},
	}, func(ctx context.Context, input *struct {
		OccurrenceID string `path:"occurrence_id"`
	}) (*struct {
		Body OccurrenceResponse `json:"body"`
	}, error) {
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		o, err := e.CompleteOccurrence(ctx, input.OccurrenceID, actorID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body OccurrenceResponse `json:"body"`
		}{Body: occurrenceResponse(o)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "record-evidence-event",
		Method:      http.MethodPost,
		Path:        "/occurrences/{occurrence_id}/evidence",
		Summary:     "Apply an evidence event",
		Errors: []int{
			http.StatusBadRequest,
			http.StatusNotFound,
			http.StatusConflict,
			http.StatusUnprocessableEntity,
		},
	}, func(ctx context.Context, input *struct {
		OccurrenceID string               `path:"occurrence_id"`
		Body         EvidenceEventRequest `json:"body"`
	}) (*struct {
		Body OccurrenceResponse `json:"body"`
	}, error) {
		if len(bodyBytes(ctx)) == 0 {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "body required", nil)
		}
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		o, err := e.RecordEvidenceEvent(ctx, input.OccurrenceID, input.Body.Event, actorID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body OccurrenceResponse `json:"body"`
		}{Body: occurrenceResponse(o)}, nil
	})
}

func registerEvents(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "list-events",
		Method:      http.MethodGet,
		Path:        "/letters/{letter_id}/events",
		Summary:     "List recent events for a letter",
		Errors:      []int{http.StatusBadRequest},
	}, func(ctx context.Context, input *struct {
		LetterID string `path:"letter_id"`
		Type     string `query:"type"`
		Limit    int    `query:"limit" default:"50"`
	}) (*struct {
		Body []EventResponse `json:"body"`
	}, error) {
		limit := normalizeLimit(input.Limit)
		items, err := e.Repo.LatestEvents(ctx, limit, input.LetterID, input.Type)
		if err != nil {
			return nil, handleError(err)
		}
		res := make([]EventResponse, 0, len(items))
		for _, evt := range items {
			res = append(res, eventResponse(evt))
		}
		return &struct {
			Body []EventResponse `json:"body"`
		}{Body: res}, nil
	})
}

func materializeResponse(res engine.MaterializeResult) MaterializeResponse {
	out := MaterializeResponse{
		Created:  res.Created,
		Removed:  res.Removed,
		Skipped:  []ActionIssueResponse{},
		Warnings: []ActionIssueResponse{},
	}
	for _, it := range res.Skipped {
		out.Skipped = append(out.Skipped, ActionIssueResponse(it))
	}
	for _, it := range res.Warnings {
		out.Warnings = append(out.Warnings, ActionIssueResponse(it))
	}
	return out
}

func windowFromRequest(req MaterializeRequest) (recur.Window, error) {
	var w recur.Window
	if req.WindowStart == nil && req.WindowEnd == nil {
		return w, nil
	}
	if req.WindowStart == nil || req.WindowEnd == nil {
		return w, fmt.Errorf("window_start and window_end must be set together")
	}
	start, err := dateutil.Parse(*req.WindowStart)
	if err != nil {
		return w, err
	}
	end, err := dateutil.Parse(*req.WindowEnd)
	if err != nil {
		return w, err
	}
	w.Start = start
	w.End = end
	return w, nil
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

func bodyBytes(ctx context.Context) []byte {
	if buf, ok := ctx.Value(bodyBytesKey{}).([]byte); ok {
		return buf
	}
	req, ok := ctx.Value(requestKey{}).(*http.Request)
	if !ok || req == nil {
		return nil
	}
	data, _ := io.ReadAll(req.Body)
	return data
}

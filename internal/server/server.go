// Package server exposes the workbench daemon's HTTP API: operator session
// control, unit lifecycle operations on the local bench, and read access to
// units, passports, anchor records and the event log.
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

	"benchline/internal/anchor"
	"benchline/internal/engine"
	"benchline/internal/identity"
	"benchline/internal/repo"
)

// Config for the HTTP API handler.
type Config struct {
	Engine   engine.Engine
	Pipeline *anchor.Pipeline
	BasePath string
	Auth     AuthConfig
}

type apiErrorBody struct {
	Code    string         `json:"code" example:"stage_already_open"`
	Message string         `json:"message" example:"unit already has an open stage"`
	Details map[string]any `json:"details,omitempty" jsonschema:"type=object,additionalProperties=true"`
}

// apiError models the error envelope.
type apiError struct {
	status int
	Body   apiErrorBody `json:"error"`
}

func (e *apiError) GetStatus() int { return e.status }
func (e *apiError) Error() string  { return e.Body.Message }

// New returns an HTTP handler exposing the Benchline API.
func New(cfg Config) (http.Handler, error) {
	basePath := cfg.BasePath
	if basePath == "" {
		basePath = "/v0"
	}
	if !strings.HasPrefix(basePath, "/") {
		basePath = "/" + basePath
	}
	huma.DefaultArrayNullable = false
	// Override Huma errors to use the envelope.
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
	router.Use(newAuthMiddleware(basePath, cfg.Auth, cfg.Engine.Repo))
	hcfg := huma.DefaultConfig("Benchline API", "0.1.0")
	hcfg.OpenAPIPath = "/openapi"
	hcfg.DocsPath = "" // custom Swagger UI below
	api := humachi.New(router, hcfg)
	group := huma.NewGroup(api, basePath)

	benchID := int64(cfg.Engine.Config.Workbench.Number)

	registerDocs(router, basePath)
	registerHealth(group)
	registerStatus(group, cfg.Engine, benchID)
	registerSession(group, cfg.Engine, benchID)
	registerBenchOps(group, cfg.Engine, benchID)
	registerUnits(group, cfg.Engine)
	registerAnchors(group, cfg.Engine, cfg.Pipeline)
	registerEvents(group, cfg.Engine)
	registerOperators(group, cfg.Engine)
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

// handleError maps engine and repo errors to the envelope. Lifecycle contract
// violations carry their reason code; occupancy and assignment clashes are
// conflicts, precondition failures are unprocessable.
func handleError(err error) huma.StatusError {
	if err == nil {
		return nil
	}
	var ee *engine.Error
	if errors.As(err, &ee) {
		return newAPIError(statusForCode(ee.Code), ee.Code, ee.Message, nil)
	}
	if errors.Is(err, identity.ErrUnknownCredential) {
		return newAPIError(http.StatusForbidden, "unknown_credential", err.Error(), nil)
	}
	if errors.Is(err, identity.ErrResolverUnavailable) {
		return newAPIError(http.StatusServiceUnavailable, "identity_unavailable", err.Error(), nil)
	}
	if errors.Is(err, anchor.ErrNotRedrivable) {
		return newAPIError(http.StatusConflict, "not_redrivable", err.Error(), nil)
	}
	if errors.Is(err, repo.ErrNotFound) {
		return newAPIError(http.StatusNotFound, "not_found", err.Error(), nil)
	}
	return newAPIError(http.StatusInternalServerError, "internal_error", "internal error", map[string]any{"error": err.Error()})
}

func statusForCode(code string) int {
	switch code {
	case "already_occupied", "unit_already_assigned", "unit_busy_elsewhere",
		"stage_already_open", "component_in_use", "no_session", "no_active_unit":
		return http.StatusConflict
	default:
		return http.StatusUnprocessableEntity
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
	case http.StatusForbidden:
		return "forbidden"
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
			spec, _ = json.Marshal(api.OpenAPI())
		}
		w.Header().Set("Content-Type", "application/json")
		w.Write(spec)
	})
}

func swaggerHTML(basePath string) string {
	specURL := path.Join("/", path.Join(basePath, "openapi.json"))
	return fmt.Sprintf(`<!doctype html>
<html lang="en">
  <head>
    <meta charset="utf-8"/>
    <meta name="viewport" content="width=device-width, initial-scale=1"/>
    <title>Benchline API Docs</title>
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

func registerStatus(api huma.API, e engine.Engine, benchID int64) {
	huma.Register(api, huma.Operation{
		OperationID: "status",
		Method:      http.MethodGet,
		Path:        "/status",
		Summary:     "Workbench status",
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body WorkbenchResponse `json:"body"`
	}, error) {
		w, err := e.Workbench(ctx, benchID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body WorkbenchResponse `json:"body"`
		}{Body: workbenchResponse(w)}, nil
	})
}

func registerSession(api huma.API, e engine.Engine, benchID int64) {
	huma.Register(api, huma.Operation{
		OperationID: "session-login",
		Method:      http.MethodPost,
		Path:        "/session/login",
		Summary:     "Open operator session",
		Errors: []int{
			http.StatusBadRequest,
			http.StatusForbidden,
			http.StatusConflict,
			http.StatusServiceUnavailable,
		},
	}, func(ctx context.Context, input *struct {
		Body LoginRequest `json:"body"`
	}) (*struct {
		Body WorkbenchResponse `json:"body"`
	}, error) {
		if input.Body.CredentialID == "" {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "credential_id is required", nil)
		}
		w, err := e.Authenticate(ctx, benchID, input.Body.CredentialID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body WorkbenchResponse `json:"body"`
		}{Body: workbenchResponse(w)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "session-logout",
		Method:      http.MethodPost,
		Path:        "/session/logout",
		Summary:     "Close operator session",
		Errors:      []int{http.StatusConflict},
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body WorkbenchResponse `json:"body"`
	}, error) {
		w, err := e.EndSession(ctx, benchID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body WorkbenchResponse `json:"body"`
		}{Body: workbenchResponse(w)}, nil
	})
}

func registerBenchOps(api huma.API, e engine.Engine, benchID int64) {
	huma.Register(api, huma.Operation{
		OperationID:   "start-unit",
		Method:        http.MethodPost,
		Path:          "/workbench/units",
		Summary:       "Start or resume a unit on this workbench",
		DefaultStatus: http.StatusCreated,
		Errors: []int{
			http.StatusBadRequest,
			http.StatusNotFound,
			http.StatusConflict,
			http.StatusUnprocessableEntity,
		},
	}, func(ctx context.Context, input *struct {
		Body StartUnitRequest `json:"body"`
	}) (*struct {
		Body UnitResponse `json:"body"`
	}, error) {
		if input.Body.UnitID == "" && input.Body.Model == "" {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "model is required for a new unit", nil)
		}
		u, err := e.StartUnit(ctx, benchID, engine.StartUnitParams{
			UnitID:       input.Body.UnitID,
			ParentID:     input.Body.ParentID,
			Model:        input.Body.Model,
			SerialNumber: input.Body.SerialNumber,
		})
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body UnitResponse `json:"body"`
		}{Body: unitResponse(u)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID:   "open-stage",
		Method:        http.MethodPost,
		Path:          "/workbench/stages",
		Summary:       "Open an assembly stage on the active unit",
		DefaultStatus: http.StatusCreated,
		Errors: []int{
			http.StatusBadRequest,
			http.StatusConflict,
		},
	}, func(ctx context.Context, input *struct {
		Body OpenStageRequest `json:"body"`
	}) (*struct {
		Body StageResponse `json:"body"`
	}, error) {
		if input.Body.Name == "" {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "name is required", nil)
		}
		s, err := e.OpenStage(ctx, benchID, input.Body.Name, input.Body.Metadata)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body StageResponse `json:"body"`
		}{Body: stageResponse(s)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "close-stage",
		Method:      http.MethodPost,
		Path:        "/workbench/stages/close",
		Summary:     "Close the active unit's open stage",
		Errors: []int{
			http.StatusConflict,
			http.StatusUnprocessableEntity,
		},
	}, func(ctx context.Context, input *struct {
		Body CloseStageRequest `json:"body"`
	}) (*struct {
		Body StageResponse `json:"body"`
	}, error) {
		s, err := e.CloseStage(ctx, benchID, input.Body.Media, input.Body.Metadata)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body StageResponse `json:"body"`
		}{Body: stageResponse(s)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "complete-unit",
		Method:      http.MethodPost,
		Path:        "/workbench/complete",
		Summary:     "Complete the active unit and issue its passport",
		Errors: []int{
			http.StatusConflict,
			http.StatusUnprocessableEntity,
		},
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body CompleteResponse `json:"body"`
	}, error) {
		u, p, err := e.CompleteUnit(ctx, benchID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body CompleteResponse `json:"body"`
		}{Body: CompleteResponse{Unit: unitResponse(u), Passport: passportResponse(p)}}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "terminate-unit",
		Method:      http.MethodPost,
		Path:        "/workbench/terminate",
		Summary:     "Terminate the active unit",
		Errors: []int{
			http.StatusBadRequest,
			http.StatusConflict,
			http.StatusUnprocessableEntity,
		},
	}, func(ctx context.Context, input *struct {
		Body TerminateRequest `json:"body"`
	}) (*struct {
		Body UnitResponse `json:"body"`
	}, error) {
		if input.Body.Reason == "" {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "reason is required", nil)
		}
		u, err := e.TerminateUnit(ctx, benchID, input.Body.Reason)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body UnitResponse `json:"body"`
		}{Body: unitResponse(u)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "assign-component",
		Method:      http.MethodPost,
		Path:        "/workbench/components",
		Summary:     "Mount a completed component into the active unit",
		Errors: []int{
			http.StatusBadRequest,
			http.StatusNotFound,
			http.StatusConflict,
			http.StatusUnprocessableEntity,
		},
	}, func(ctx context.Context, input *struct {
		Body AssignComponentRequest `json:"body"`
	}) (*struct {
		Body UnitResponse `json:"body"`
	}, error) {
		if input.Body.ComponentID == "" {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "component_id is required", nil)
		}
		u, err := e.AssignComponent(ctx, benchID, input.Body.ComponentID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body UnitResponse `json:"body"`
		}{Body: unitResponse(u)}, nil
	})
}

func registerUnits(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "list-units",
		Method:      http.MethodGet,
		Path:        "/units",
		Summary:     "List units",
	}, func(ctx context.Context, input *struct {
		Status string `query:"status" enum:"in_progress,completed,terminated,"`
		Limit  int    `query:"limit" default:"50"`
	}) (*struct {
		Body []UnitResponse `json:"body"`
	}, error) {
		items, err := e.Repo.ListUnits(ctx, input.Status, input.Limit)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body []UnitResponse `json:"body"`
		}{Body: mapUnits(items)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-unit",
		Method:      http.MethodGet,
		Path:        "/units/{id}",
		Summary:     "Get unit",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		ID string `path:"id"`
	}) (*struct {
		Body UnitResponse `json:"body"`
	}, error) {
		u, err := e.Repo.GetUnit(ctx, input.ID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body UnitResponse `json:"body"`
		}{Body: unitResponse(u)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-unit-stages",
		Method:      http.MethodGet,
		Path:        "/units/{id}/stages",
		Summary:     "Unit stage history",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		ID string `path:"id"`
	}) (*struct {
		Body []StageResponse `json:"body"`
	}, error) {
		if _, err := e.Repo.GetUnit(ctx, input.ID); err != nil {
			return nil, handleError(err)
		}
		items, err := e.ListStages(ctx, input.ID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body []StageResponse `json:"body"`
		}{Body: mapStages(items)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-unit-passport",
		Method:      http.MethodGet,
		Path:        "/units/{id}/passport",
		Summary:     "Unit passport",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		ID string `path:"id"`
	}) (*struct {
		Body PassportResponse `json:"body"`
	}, error) {
		p, err := e.Repo.GetPassport(ctx, input.ID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body PassportResponse `json:"body"`
		}{Body: passportResponse(p)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-unit-components",
		Method:      http.MethodGet,
		Path:        "/units/{id}/components",
		Summary:     "Unit components",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		ID string `path:"id"`
	}) (*struct {
		Body []UnitResponse `json:"body"`
	}, error) {
		if _, err := e.Repo.GetUnit(ctx, input.ID); err != nil {
			return nil, handleError(err)
		}
		items, err := e.Repo.ListChildren(ctx, nil, input.ID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body []UnitResponse `json:"body"`
		}{Body: mapUnits(items)}, nil
	})
}

func registerAnchors(api huma.API, e engine.Engine, pipeline *anchor.Pipeline) {
	huma.Register(api, huma.Operation{
		OperationID: "list-anchors",
		Method:      http.MethodGet,
		Path:        "/anchors",
		Summary:     "List anchor records",
	}, func(ctx context.Context, input *struct {
		Limit int `query:"limit" default:"50"`
	}) (*struct {
		Body []AnchorResponse `json:"body"`
	}, error) {
		items, err := e.Repo.ListAnchorRecords(ctx, input.Limit)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body []AnchorResponse `json:"body"`
		}{Body: mapAnchors(items)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-anchor",
		Method:      http.MethodGet,
		Path:        "/anchors/{unit_id}",
		Summary:     "Get anchor record",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		UnitID string `path:"unit_id"`
	}) (*struct {
		Body AnchorResponse `json:"body"`
	}, error) {
		a, err := e.Repo.GetAnchorRecord(ctx, input.UnitID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body AnchorResponse `json:"body"`
		}{Body: anchorResponse(a)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "redrive-anchor",
		Method:      http.MethodPost,
		Path:        "/anchors/{unit_id}/redrive",
		Summary:     "Retry failed anchoring steps",
		Errors: []int{
			http.StatusNotFound,
			http.StatusConflict,
		},
	}, func(ctx context.Context, input *struct {
		UnitID string `path:"unit_id"`
	}) (*struct {
		Body AnchorResponse `json:"body"`
	}, error) {
		a, err := pipeline.Redrive(ctx, input.UnitID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body AnchorResponse `json:"body"`
		}{Body: anchorResponse(a)}, nil
	})
}

func registerEvents(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "list-events",
		Method:      http.MethodGet,
		Path:        "/events",
		Summary:     "List events",
	}, func(ctx context.Context, input *struct {
		EntityKind string `query:"entity_kind"`
		EntityID   string `query:"entity_id"`
		Limit      int    `query:"limit" default:"100"`
	}) (*struct {
		Body []EventResponse `json:"body"`
	}, error) {
		items, err := e.Repo.ListEvents(ctx, input.EntityKind, input.EntityID, input.Limit)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body []EventResponse `json:"body"`
		}{Body: mapEvents(items)}, nil
	})
}

func registerOperators(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID:   "create-operator",
		Method:        http.MethodPost,
		Path:          "/operators",
		Summary:       "Register operator and credential",
		DefaultStatus: http.StatusCreated,
		Errors:        []int{http.StatusBadRequest, http.StatusConflict},
	}, func(ctx context.Context, input *struct {
		Body CreateOperatorRequest `json:"body"`
	}) (*struct {
		Body OperatorResponse `json:"body"`
	}, error) {
		if input.Body.Name == "" || input.Body.CredentialID == "" {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "name and credential_id are required", nil)
		}
		op, err := e.RegisterOperator(ctx, input.Body.ID, input.Body.Name, input.Body.Position, input.Body.CredentialID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body OperatorResponse `json:"body"`
		}{Body: operatorResponse(op)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-operators",
		Method:      http.MethodGet,
		Path:        "/operators",
		Summary:     "List operators",
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body []OperatorResponse `json:"body"`
	}, error) {
		items, err := e.Repo.ListOperators(ctx)
		if err != nil {
			return nil, handleError(err)
		}
		res := []OperatorResponse{}
		for _, op := range items {
			res = append(res, operatorResponse(op))
		}
		return &struct {
			Body []OperatorResponse `json:"body"`
		}{Body: res}, nil
	})
}

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
	"time"

	"github.com/danielgtaylor/huma/v2"
	humachi "github.com/danielgtaylor/huma/v2/adapters/humachi"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"flowboard/internal/board"
	"flowboard/internal/engine"
	"flowboard/internal/groups"
	"flowboard/internal/lifecycle"
	"flowboard/internal/logger"
	"flowboard/internal/repo"
)

// Config for the HTTP API handler.
type Config struct {
	Engine   engine.Engine
	BasePath string
	Log      logger.Logger
}

type apiErrorBody struct {
	Code    string         `json:"code" example:"missing_prerequisite"`
	Message string         `json:"message" example:"missing prerequisite: item 42 waits for [41]"`
	Details map[string]any `json:"details,omitempty" jsonschema:"type=object,additionalProperties=true" example:"{\"blocked_by\":[\"41\"]}"`
}

// apiError models the error envelope every route returns.
type apiError struct {
	status int
	Body   apiErrorBody `json:"error"`
}

func (e *apiError) GetStatus() int { return e.status }
func (e *apiError) Error() string  { return e.Body.Message }

// New returns an HTTP handler exposing the flowboard API.
func New(cfg Config) (http.Handler, error) {
	basePath := cfg.BasePath
	if basePath == "" {
		basePath = "/v0"
	}
	if !strings.HasPrefix(basePath, "/") {
		basePath = "/" + basePath
	}
	log := cfg.Log
	if log == nil {
		log = logger.Nop()
	}
	log = log.WithComponent("server")

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
	router.Use(requestLogger(log))
	hcfg := huma.DefaultConfig("flowboard API", "0.1.0")
	hcfg.OpenAPIPath = "/openapi"
	hcfg.DocsPath = ""
	api := humachi.New(router, hcfg)
	group := huma.NewGroup(api, basePath)

	registerDocs(router, basePath)
	registerHealth(group)
	registerItems(group, cfg.Engine)
	registerGroups(group, cfg.Engine)
	registerAttention(group, cfg.Engine)
	registerOpenAPI(router, api, basePath)

	return router, nil
}

func requestLogger(log logger.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
			start := time.Now()
			next.ServeHTTP(ww, r)
			log.Debug("request",
				logger.F("method", r.Method),
				logger.F("path", r.URL.Path),
				logger.F("status", ww.Status()),
				logger.F("duration", time.Since(start).String()))
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

func handleError(err error) huma.StatusError {
	if err == nil {
		return nil
	}
	msg := err.Error()
	var mp *engine.MissingPrerequisiteError
	if errors.As(err, &mp) {
		details := map[string]any{"item_id": mp.ItemID}
		if len(mp.BlockedBy) > 0 {
			details["blocked_by"] = mp.BlockedBy
		}
		if mp.Group != "" {
			details["group_id"] = mp.Group
		}
		return newAPIError(http.StatusConflict, "missing_prerequisite", msg, details)
	}
	var ie *board.InvariantError
	if errors.As(err, &ie) {
		return newAPIError(http.StatusUnprocessableEntity, "board_invariant", msg, map[string]any{"board_id": ie.BoardID})
	}
	var pe lifecycle.ErrInvalidPhase
	if errors.As(err, &pe) {
		return newAPIError(http.StatusConflict, "invalid_phase", msg, map[string]any{"from": pe.From, "to": pe.To})
	}
	switch {
	case errors.Is(err, repo.ErrNotFound):
		return newAPIError(http.StatusNotFound, "not_found", msg, nil)
	case errors.Is(err, repo.ErrVersionConflict):
		return newAPIError(http.StatusConflict, "version_conflict", msg, nil)
	case errors.Is(err, engine.ErrMissingPrerequisite):
		return newAPIError(http.StatusConflict, "missing_prerequisite", msg, nil)
	case errors.Is(err, engine.ErrGroupFrozen):
		return newAPIError(http.StatusConflict, "group_frozen", msg, nil)
	case errors.Is(err, groups.ErrWrongStatus):
		return newAPIError(http.StatusConflict, "group_status", msg, nil)
	case errors.Is(err, engine.ErrConfirmationPending):
		return newAPIError(http.StatusConflict, "confirmation_pending", msg, nil)
	case errors.Is(err, engine.ErrNoPendingTransition):
		return newAPIError(http.StatusConflict, "no_pending_transition", msg, nil)
	case errors.Is(err, engine.ErrCycleRequired):
		return newAPIError(http.StatusBadRequest, "cycle_required", msg, nil)
	case errors.Is(err, engine.ErrStaleDecision):
		return newAPIError(http.StatusConflict, "stale_decision", msg, nil)
	case errors.Is(err, engine.ErrNotResolvable):
		return newAPIError(http.StatusConflict, "not_resolvable", msg, nil)
	case errors.Is(err, engine.ErrCycle):
		return newAPIError(http.StatusUnprocessableEntity, "cycle_detected", msg, nil)
	case errors.Is(err, engine.ErrInvalidTransition):
		return newAPIError(http.StatusUnprocessableEntity, "invalid_transition", msg, nil)
	case errors.Is(err, engine.ErrMalformedSignal):
		return newAPIError(http.StatusUnprocessableEntity, "malformed_signal", msg, nil)
	case errors.Is(err, groups.ErrInvalidPlan),
		errors.Is(err, groups.ErrNotMember),
		errors.Is(err, groups.ErrAlreadyMember):
		return newAPIError(http.StatusBadRequest, "bad_request", msg, nil)
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return newAPIError(http.StatusServiceUnavailable, "unavailable", msg, nil)
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
			spec, _ = json.Marshal(oas)
		}
		w.Header().Set("Content-Type", "application/json")
		w.Write(spec)
	})
}

// ensureDefaultErrorResponses documents the error envelope on every operation.
func ensureDefaultErrorResponses(oas *huma.OpenAPI) {
	if oas == nil || oas.Paths == nil {
		return
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

func swaggerHTML(basePath string) string {
	specURL := path.Join("/", path.Join(basePath, "openapi.json"))
	return fmt.Sprintf(`<!doctype html>
<html lang="en">
  <head>
    <meta charset="utf-8"/>
    <meta name="viewport" content="width=device-width, initial-scale=1"/>
    <title>flowboard API Docs</title>
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
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body map[string]string `json:"body"`
	}, error) {
		return &struct {
			Body map[string]string `json:"body"`
		}{Body: map[string]string{"status": "ok"}}, nil
	})
}

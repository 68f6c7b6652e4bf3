package server

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"path"
	"strings"

	"github.com/danielgtaylor/huma/v2"
	humachi "github.com/danielgtaylor/huma/v2/adapters/humachi"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"readiness/internal/domain"
	"readiness/internal/engine"
	"readiness/internal/engine/auth"
	"readiness/internal/logging"
	"readiness/internal/migrate"
	"readiness/internal/repo"
)

const defaultMaxUploadBytes = 32 << 20

// Config for the HTTP API handler.
type Config struct {
	Engine         engine.Engine
	RBAC           auth.Service
	BasePath       string
	Auth           AuthConfig
	Logger         *slog.Logger
	MaxUploadBytes int64
}

type apiErrorBody struct {
	Code    string         `json:"code" example:"precondition_failed"`
	Message string         `json:"message" example:"preconditions not met: stage appraisal has 2 of 4 applicable items outstanding"`
	Details map[string]any `json:"details,omitempty" jsonschema:"type=object,additionalProperties=true" example:"{\"field\":\"signature_title\"}"`
}

// apiError models the error envelope.
type apiError struct {
	status int
	Body   apiErrorBody `json:"error"`
}

func (e *apiError) GetStatus() int { return e.status }
func (e *apiError) Error() string  { return e.Body.Message }

// New returns an HTTP handler exposing the readiness API.
func New(cfg Config) (http.Handler, error) {
	basePath := cfg.BasePath
	if basePath == "" {
		basePath = "/v0"
	}
	if !strings.HasPrefix(basePath, "/") {
		basePath = "/" + basePath
	}
	if cfg.MaxUploadBytes <= 0 {
		cfg.MaxUploadBytes = defaultMaxUploadBytes
	}
	huma.DefaultArrayNullable = false
	huma.NewError = func(status int, msg string, errs ...error) huma.StatusError {
		return newAPIError(status, "", msg, nil)
	}
	huma.NewErrorWithContext = func(_ huma.Context, status int, msg string, errs ...error) huma.StatusError {
		if status == http.StatusUnprocessableEntity && strings.Contains(strings.ToLower(msg), "validation") {
			// Schema/request validation errors are caller input problems.
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
	router.Use(logging.RequestLogger(cfg.Logger))
	router.Use(newAuthMiddleware(basePath, cfg.Auth, cfg.RBAC))
	router.Use(limitUploads(basePath, cfg.MaxUploadBytes))
	hcfg := huma.DefaultConfig("Readiness API", "0.1.0")
	api := humachi.New(router, hcfg)
	group := huma.NewGroup(api, basePath)

	registerHealth(group, cfg.Engine)
	registerCatalog(group, cfg.Engine)
	registerReadiness(group, cfg.Engine, cfg.MaxUploadBytes)
	registerEndorsement(group, cfg.Engine)
	registerOrganizations(group, cfg.Engine)
	registerEvents(group, cfg.Engine)
	registerMe(group)
	if cfg.Auth.AllowDevLogin {
		registerDevAuth(group, cfg.Auth, cfg.RBAC)
	}
	applyAuthSecurity(api.OpenAPI(), basePath)

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

// handleError maps domain error kinds onto the envelope.
func handleError(ctx context.Context, err error) huma.StatusError {
	if err == nil {
		return nil
	}
	var se huma.StatusError
	if errors.As(err, &se) {
		return se
	}
	var ve domain.ValidationError
	var fe domain.ForbiddenError
	var nf domain.NotFoundError
	switch {
	case errors.As(err, &ve):
		var details map[string]any
		if ve.Field != "" {
			details = map[string]any{"field": ve.Field}
		}
		return newAPIError(http.StatusBadRequest, string(domain.KindValidation), err.Error(), details)
	case domain.IsKind(err, domain.KindPrecondition):
		return newAPIError(http.StatusUnprocessableEntity, string(domain.KindPrecondition), err.Error(), nil)
	case domain.IsKind(err, domain.KindConflict):
		return newAPIError(http.StatusConflict, string(domain.KindConflict), err.Error(), nil)
	case errors.As(err, &fe):
		return newAPIError(http.StatusForbidden, string(domain.KindForbidden), err.Error(), map[string]any{"permission": fe.Permission})
	case errors.As(err, &nf):
		return newAPIError(http.StatusNotFound, string(domain.KindNotFound), err.Error(), map[string]any{"entity": nf.Entity, "id": nf.ID})
	case errors.Is(err, repo.ErrNotFound):
		return newAPIError(http.StatusNotFound, string(domain.KindNotFound), err.Error(), nil)
	}
	logging.FromContext(ctx).ErrorContext(ctx, "request failed", "err", err)
	return newAPIError(http.StatusInternalServerError, "internal_error", "internal error", nil)
}

func defaultCodeForStatus(status int) string {
	switch status {
	case http.StatusBadRequest:
		return "bad_request"
	case http.StatusUnauthorized:
		return "unauthorized"
	case http.StatusNotFound:
		return string(domain.KindNotFound)
	case http.StatusConflict:
		return string(domain.KindConflict)
	case http.StatusUnprocessableEntity:
		return string(domain.KindPrecondition)
	case http.StatusForbidden:
		return string(domain.KindForbidden)
	case http.StatusInternalServerError:
		return "internal_error"
	default:
		return strings.ToLower(strings.ReplaceAll(http.StatusText(status), " ", "_"))
	}
}

func requirePermission(ctx context.Context, perm string) (Principal, huma.StatusError) {
	p, authErr := principalFromRequest(ctx)
	if authErr != nil {
		return Principal{}, authErr
	}
	if err := p.Require(perm); err != nil {
		return Principal{}, handleError(ctx, err)
	}
	return p, nil
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
	open := map[string]bool{
		path.Join(basePath, "health"):         true,
		path.Join(basePath, "auth/dev/login"): true,
	}
	for route, item := range oas.Paths {
		for _, op := range []*huma.Operation{
			item.Get, item.Put, item.Post, item.Delete, item.Patch,
		} {
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

type healthBody struct {
	Status        string `json:"status" example:"ok"`
	SchemaVersion int    `json:"schema_version"`
}

func registerHealth(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "health",
		Method:      http.MethodGet,
		Path:        "/health",
		Summary:     "Health check",
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body healthBody `json:"body"`
	}, error) {
		v, err := migrate.Version(e.DB)
		if err != nil {
			return nil, handleError(ctx, err)
		}
		return &struct {
			Body healthBody `json:"body"`
		}{Body: healthBody{Status: "ok", SchemaVersion: v}}, nil
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

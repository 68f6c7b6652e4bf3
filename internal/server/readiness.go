package server

import (
	"context"
	"fmt"
	"mime/multipart"
	"net/http"
	"path"
	"strings"

	"github.com/danielgtaylor/huma/v2"

	"readiness/internal/config"
	"readiness/internal/domain"
	"readiness/internal/engine"
	"readiness/internal/repo"
)

func registerCatalog(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "getCatalog",
		Method:      http.MethodGet,
		Path:        "/catalog",
		Summary:     "Checklist catalog",
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body domain.Catalog `json:"body"`
	}, error) {
		if _, authErr := requirePermission(ctx, config.PermRead); authErr != nil {
			return nil, authErr
		}
		cat, err := e.Catalog(ctx)
		if err != nil {
			return nil, handleError(ctx, err)
		}
		return &struct {
			Body domain.Catalog `json:"body"`
		}{Body: cat}, nil
	})
}

func registerReadiness(api huma.API, e engine.Engine, maxUpload int64) {
	huma.Register(api, huma.Operation{
		OperationID: "getReadiness",
		Method:      http.MethodGet,
		Path:        "/activities/{activity_id}/readiness",
		Summary:     "Readiness state of an activity",
	}, func(ctx context.Context, input *struct {
		ActivityID string `path:"activity_id"`
	}) (*struct {
		Body domain.ReadinessState `json:"body"`
	}, error) {
		if _, authErr := requirePermission(ctx, config.PermRead); authErr != nil {
			return nil, authErr
		}
		st, err := e.State(ctx, input.ActivityID)
		if err != nil {
			return nil, handleError(ctx, err)
		}
		return &struct {
			Body domain.ReadinessState `json:"body"`
		}{Body: st}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "updateReadinessConfig",
		Method:      http.MethodPut,
		Path:        "/activities/{activity_id}/readiness/config",
		Summary:     "Replace the applicability configuration",
	}, func(ctx context.Context, input *struct {
		ActivityID string `path:"activity_id"`
		Body       UpdateConfigRequest
	}) (*struct {
		Body domain.ActivityConfig `json:"body"`
	}, error) {
		p, authErr := requirePermission(ctx, config.PermWrite)
		if authErr != nil {
			return nil, authErr
		}
		cfg, err := e.UpdateConfig(ctx, input.ActivityID, input.Body.toDomain(), p.ActorID)
		if err != nil {
			return nil, handleError(ctx, err)
		}
		return &struct {
			Body domain.ActivityConfig `json:"body"`
		}{Body: cfg}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "updateItemResponse",
		Method:      http.MethodPut,
		Path:        "/activities/{activity_id}/readiness/items/{item_id}",
		Summary:     "Set the status of a checklist item",
	}, func(ctx context.Context, input *struct {
		ActivityID string `path:"activity_id"`
		ItemID     string `path:"item_id"`
		Body       UpdateItemRequest
	}) (*struct {
		Body domain.ItemResponse `json:"body"`
	}, error) {
		p, authErr := requirePermission(ctx, config.PermWrite)
		if authErr != nil {
			return nil, authErr
		}
		resp, err := e.UpdateItemResponse(ctx, input.ActivityID, input.ItemID, input.Body.toDomain(), p.ActorID)
		if err != nil {
			return nil, handleError(ctx, err)
		}
		return &struct {
			Body domain.ItemResponse `json:"body"`
		}{Body: resp}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID:   "uploadDocument",
		Method:        http.MethodPost,
		Path:          "/activities/{activity_id}/readiness/items/{item_id}/documents",
		Summary:       "Attach an evidence document",
		DefaultStatus: http.StatusCreated,
	}, func(ctx context.Context, input *struct {
		ActivityID string `path:"activity_id"`
		ItemID     string `path:"item_id"`
		RawBody    multipart.Form
	}) (*struct {
		Body domain.EvidenceDocument `json:"body"`
	}, error) {
		p, authErr := requirePermission(ctx, config.PermWrite)
		if authErr != nil {
			return nil, authErr
		}
		files := input.RawBody.File["file"]
		if len(files) != 1 {
			return nil, handleError(ctx, domain.ValidationError{Field: "file", Reason: "exactly one file part is required"})
		}
		fh := files[0]
		if fh.Size > maxUpload {
			return nil, handleError(ctx, domain.ValidationError{Field: "file", Reason: fmt.Sprintf("exceeds %d bytes", maxUpload)})
		}
		name := fh.Filename
		if v := formValue(input.RawBody, "file_name"); v != "" {
			name = v
		}
		fileType := fh.Header.Get("Content-Type")
		if v := formValue(input.RawBody, "file_type"); v != "" {
			fileType = v
		}
		f, err := fh.Open()
		if err != nil {
			return nil, handleError(ctx, fmt.Errorf("open upload: %w", err))
		}
		defer f.Close()
		doc, err := e.UploadDocument(ctx, input.ActivityID, input.ItemID, domain.Upload{
			FileName: name,
			FileType: fileType,
			Size:     fh.Size,
			Body:     f,
		}, p.ActorID)
		if err != nil {
			return nil, handleError(ctx, err)
		}
		return &struct {
			Body domain.EvidenceDocument `json:"body"`
		}{Body: doc}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID:   "deleteDocument",
		Method:        http.MethodDelete,
		Path:          "/activities/{activity_id}/readiness/documents/{document_id}",
		Summary:       "Remove an evidence document",
		DefaultStatus: http.StatusNoContent,
	}, func(ctx context.Context, input *struct {
		ActivityID string `path:"activity_id"`
		DocumentID string `path:"document_id"`
	}) (*struct{}, error) {
		p, authErr := requirePermission(ctx, config.PermWrite)
		if authErr != nil {
			return nil, authErr
		}
		if err := e.DeleteDocument(ctx, input.ActivityID, input.DocumentID, p.ActorID); err != nil {
			return nil, handleError(ctx, err)
		}
		return &struct{}{}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID:   "signOffStage",
		Method:        http.MethodPost,
		Path:          "/activities/{activity_id}/readiness/stages/{stage_id}/signoff",
		Summary:       "Sign off a ready stage",
		DefaultStatus: http.StatusCreated,
	}, func(ctx context.Context, input *struct {
		ActivityID string `path:"activity_id"`
		StageID    string `path:"stage_id"`
		Body       SignOffRequest
	}) (*struct {
		Body domain.StageSignoff `json:"body"`
	}, error) {
		p, authErr := requirePermission(ctx, config.PermSignoff)
		if authErr != nil {
			return nil, authErr
		}
		so, err := e.SignOff(ctx, input.ActivityID, input.StageID, input.Body.toDomain(), p.ActorID)
		if err != nil {
			return nil, handleError(ctx, err)
		}
		return &struct {
			Body domain.StageSignoff `json:"body"`
		}{Body: so}, nil
	})
}

// uploadOverheadBytes covers multipart boundaries, part headers and the
// small file_name / file_type fields around the file itself.
const uploadOverheadBytes = 1 << 20

// limitUploads caps document upload bodies before huma spools the multipart
// form. A declared length over the cap is rejected outright; otherwise the
// body is wrapped so an undeclared oversize body fails while being read.
func limitUploads(basePath string, maxUpload int64) func(http.Handler) http.Handler {
	pattern := path.Join(basePath, "/activities/*/readiness/items/*/documents")
	limit := maxUpload + uploadOverheadBytes
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if r.Method != http.MethodPost {
				next.ServeHTTP(w, r)
				return
			}
			if ok, _ := path.Match(pattern, r.URL.Path); !ok {
				next.ServeHTTP(w, r)
				return
			}
			if r.ContentLength > limit {
				verr := domain.ValidationError{Field: "file", Reason: fmt.Sprintf("exceeds %d bytes", maxUpload)}
				respondStatusError(w, newAPIError(http.StatusBadRequest, string(domain.KindValidation), verr.Error(), map[string]any{"field": "file"}))
				return
			}
			r.Body = http.MaxBytesReader(w, r.Body, limit)
			next.ServeHTTP(w, r)
		})
	}
}

func formValue(form multipart.Form, key string) string {
	if vs := form.Value[key]; len(vs) > 0 {
		return strings.TrimSpace(vs[0])
	}
	return ""
}

func registerEndorsement(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "getEndorsement",
		Method:      http.MethodGet,
		Path:        "/activities/{activity_id}/endorsement",
		Summary:     "Government endorsement of an activity",
	}, func(ctx context.Context, input *struct {
		ActivityID string `path:"activity_id"`
	}) (*struct {
		Body domain.Endorsement `json:"body"`
	}, error) {
		if _, authErr := requirePermission(ctx, config.PermRead); authErr != nil {
			return nil, authErr
		}
		en, err := e.Endorsement(ctx, input.ActivityID)
		if err != nil {
			return nil, handleError(ctx, err)
		}
		return &struct {
			Body domain.Endorsement `json:"body"`
		}{Body: en}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "saveEndorsement",
		Method:      http.MethodPut,
		Path:        "/activities/{activity_id}/endorsement",
		Summary:     "Save the government endorsement",
	}, func(ctx context.Context, input *struct {
		ActivityID string `path:"activity_id"`
		Body       SaveEndorsementRequest
	}) (*struct {
		Body domain.Endorsement `json:"body"`
	}, error) {
		p, authErr := requirePermission(ctx, config.PermWrite)
		if authErr != nil {
			return nil, authErr
		}
		en, err := e.SaveEndorsement(ctx, input.ActivityID, input.Body.toDomain(), p.ActorID)
		if err != nil {
			return nil, handleError(ctx, err)
		}
		return &struct {
			Body domain.Endorsement `json:"body"`
		}{Body: en}, nil
	})
}

func registerOrganizations(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "listGovernmentOrganizations",
		Method:      http.MethodGet,
		Path:        "/organizations/government",
		Summary:     "Government organizations eligible to endorse",
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body OrganizationsResponse `json:"body"`
	}, error) {
		if _, authErr := requirePermission(ctx, config.PermRead); authErr != nil {
			return nil, authErr
		}
		orgs, err := e.GovernmentOrganizations(ctx)
		if err != nil {
			return nil, handleError(ctx, err)
		}
		return &struct {
			Body OrganizationsResponse `json:"body"`
		}{Body: OrganizationsResponse{Items: orgs}}, nil
	})
}

func registerEvents(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "listEvents",
		Method:      http.MethodGet,
		Path:        "/events",
		Summary:     "Audit events, newest first",
	}, func(ctx context.Context, input *struct {
		ActivityID string `query:"activity_id"`
		Type       string `query:"type"`
		EntityKind string `query:"entity_kind"`
		EntityID   string `query:"entity_id"`
		Limit      int    `query:"limit"`
		Cursor     int64  `query:"cursor"`
	}) (*struct {
		Body EventsResponse `json:"body"`
	}, error) {
		if _, authErr := requirePermission(ctx, config.PermRead); authErr != nil {
			return nil, authErr
		}
		limit := normalizeLimit(input.Limit)
		filter := repo.EventFilter{
			ActivityID: input.ActivityID,
			Type:       input.Type,
			EntityKind: input.EntityKind,
			EntityID:   input.EntityID,
		}
		evs, err := e.ListEvents(ctx, limit+1, input.Cursor, filter)
		if err != nil {
			return nil, handleError(ctx, err)
		}
		var next int64
		if len(evs) > limit {
			evs = evs[:limit]
			next = evs[len(evs)-1].ID
		}
		return &struct {
			Body EventsResponse `json:"body"`
		}{Body: EventsResponse{Items: evs, NextCursor: next}}, nil
	})
}

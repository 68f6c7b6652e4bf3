package engine

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	"readiness/internal/blob"
	"readiness/internal/checklist"
	"readiness/internal/domain"
	"readiness/internal/events"
	"readiness/internal/repo"
)

const orgTypeGovernment = "government"

// Engine is the authoritative readiness store. Every mutation runs in one
// transaction, re-evaluates the gates on the data it reads there and
// appends its event before commit.
type Engine struct {
	DB     *sql.DB
	Repo   repo.Repo
	Events events.Writer
	Blobs  blob.Store
	Now    func() time.Time
}

func New(db *sql.DB, blobs blob.Store) Engine {
	return Engine{
		DB:     db,
		Repo:   repo.Repo{DB: db},
		Events: events.Writer{},
		Blobs:  blobs,
		Now:    time.Now,
	}
}

func (e Engine) now() time.Time {
	if e.Now != nil {
		return e.Now()
	}
	return time.Now()
}

func (e Engine) stamp() string {
	return e.now().UTC().Format(time.RFC3339)
}

func (e Engine) begin(ctx context.Context) (*sql.Tx, error) {
	return e.DB.BeginTx(ctx, nil)
}

// ImportCatalog replaces the checklist catalog and refreshes organizations.
func (e Engine) ImportCatalog(ctx context.Context, cat domain.Catalog, orgs []domain.Organization, actorID string) error {
	tx, err := e.begin(ctx)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	if err := e.Repo.ReplaceCatalog(ctx, tx, cat); err != nil {
		return fmt.Errorf("replace catalog: %w", err)
	}
	if err := e.Repo.UpsertOrganizations(ctx, tx, orgs); err != nil {
		return err
	}
	payload := events.EventPayload{"stages": len(cat.Stages), "items": len(cat.Items), "organizations": len(orgs)}
	if err := e.eventsWriter().Append(ctx, tx, events.TypeCatalogImported, "", "catalog", "", actorID, payload); err != nil {
		return err
	}
	return tx.Commit()
}

func (e Engine) Catalog(ctx context.Context) (domain.Catalog, error) {
	return e.Repo.LoadCatalog(ctx, nil)
}

// State assembles the readiness view of an activity. Activities without a
// stored configuration read as unconfigured.
func (e Engine) State(ctx context.Context, activityID string) (domain.ReadinessState, error) {
	if strings.TrimSpace(activityID) == "" {
		return domain.ReadinessState{}, domain.ValidationError{Field: "activity_id", Reason: "is required"}
	}
	st, err := e.stateTx(ctx, nil, activityID)
	if err != nil {
		return st, err
	}
	for si := range st.Stages {
		for ii := range st.Stages[si].Items {
			resp := st.Stages[si].Items[ii].Response
			if resp == nil {
				continue
			}
			for di := range resp.Documents {
				if err := e.decorate(ctx, &resp.Documents[di]); err != nil {
					return st, err
				}
			}
		}
	}
	return st, nil
}

func (e Engine) stateTx(ctx context.Context, tx *sql.Tx, activityID string) (domain.ReadinessState, error) {
	cat, err := e.Repo.LoadCatalog(ctx, tx)
	if err != nil {
		return domain.ReadinessState{}, fmt.Errorf("load catalog: %w", err)
	}
	cfg, err := e.Repo.GetActivityConfig(ctx, tx, activityID)
	if err != nil && !errors.Is(err, repo.ErrNotFound) {
		return domain.ReadinessState{}, err
	}
	responses, err := e.Repo.ListResponses(ctx, tx, activityID)
	if err != nil {
		return domain.ReadinessState{}, err
	}
	signoffs, err := e.Repo.ListSignoffs(ctx, tx, activityID)
	if err != nil {
		return domain.ReadinessState{}, err
	}
	return checklist.BuildState(cat, cfg, responses, signoffs), nil
}

func (e Engine) UpdateConfig(ctx context.Context, activityID string, upd domain.ConfigUpdate, actorID string) (domain.ActivityConfig, error) {
	tx, err := e.begin(ctx)
	if err != nil {
		return domain.ActivityConfig{}, err
	}
	defer tx.Rollback()
	cat, err := e.Repo.LoadCatalog(ctx, tx)
	if err != nil {
		return domain.ActivityConfig{}, err
	}
	ft, err := checkAxis("financing_type", upd.FinancingType, cat.FinancingTypes)
	if err != nil {
		return domain.ActivityConfig{}, err
	}
	fm, err := checkAxis("financing_modality", upd.FinancingModality, cat.FinancingModalities)
	if err != nil {
		return domain.ActivityConfig{}, err
	}
	cfg := domain.ActivityConfig{
		ActivityID:        activityID,
		FinancingType:     ft,
		FinancingModality: fm,
		IsInfrastructure:  upd.IsInfrastructure,
		UpdatedBy:         actorID,
		UpdatedAt:         e.stamp(),
	}
	if err := e.Repo.UpsertActivityConfig(ctx, tx, cfg); err != nil {
		return domain.ActivityConfig{}, err
	}
	payload := events.EventPayload{
		"financing_type":     deref(cfg.FinancingType),
		"financing_modality": deref(cfg.FinancingModality),
		"is_infrastructure":  cfg.IsInfrastructure,
	}
	if err := e.eventsWriter().Append(ctx, tx, events.TypeConfigUpdated, activityID, "activity_config", activityID, actorID, payload); err != nil {
		return domain.ActivityConfig{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.ActivityConfig{}, err
	}
	return cfg, nil
}

func (e Engine) UpdateItemResponse(ctx context.Context, activityID, itemID string, upd domain.ResponseUpdate, actorID string) (domain.ItemResponse, error) {
	if err := checklist.ValidateStatus(upd.Status); err != nil {
		return domain.ItemResponse{}, err
	}
	tx, err := e.begin(ctx)
	if err != nil {
		return domain.ItemResponse{}, err
	}
	defer tx.Rollback()
	if err := e.ensureItemMutable(ctx, tx, activityID, itemID); err != nil {
		return domain.ItemResponse{}, err
	}
	resp, err := e.Repo.GetResponse(ctx, tx, activityID, itemID)
	if err != nil && !errors.Is(err, repo.ErrNotFound) {
		return domain.ItemResponse{}, err
	}
	previous := resp.Status
	resp.Status = upd.Status
	if upd.Note != nil {
		resp.Note = *upd.Note
	}
	resp.UpdatedBy = actorID
	resp.UpdatedAt = e.stamp()
	if err := e.Repo.UpsertResponse(ctx, tx, resp); err != nil {
		return domain.ItemResponse{}, err
	}
	payload := events.EventPayload{"item_id": itemID, "from": string(previous), "to": string(resp.Status)}
	if err := e.eventsWriter().Append(ctx, tx, events.TypeResponseUpdated, activityID, "item_response", itemID, actorID, payload); err != nil {
		return domain.ItemResponse{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.ItemResponse{}, err
	}
	if resp.Documents == nil {
		resp.Documents = []domain.EvidenceDocument{}
	}
	return resp, nil
}

// UploadDocument stores the bytes first and the metadata second; the
// object is removed again if the metadata transaction fails.
func (e Engine) UploadDocument(ctx context.Context, activityID, itemID string, up domain.Upload, actorID string) (domain.EvidenceDocument, error) {
	if strings.TrimSpace(up.FileName) == "" {
		return domain.EvidenceDocument{}, domain.ValidationError{Field: "file_name", Reason: "is required"}
	}
	if up.Body == nil {
		return domain.EvidenceDocument{}, domain.ValidationError{Field: "file", Reason: "is required"}
	}
	if e.Blobs == nil {
		return domain.EvidenceDocument{}, errors.New("document storage not configured")
	}
	// Fail fast before writing bytes; the check repeats in the transaction.
	if err := e.ensureItemMutable(ctx, nil, activityID, itemID); err != nil {
		return domain.EvidenceDocument{}, err
	}
	doc := domain.EvidenceDocument{
		ID:         uuid.NewString(),
		ActivityID: activityID,
		ItemID:     itemID,
		FileName:   strings.TrimSpace(up.FileName),
		FileType:   up.FileType,
		FileSize:   up.Size,
		UploadedBy: actorID,
		UploadedAt: e.stamp(),
	}
	doc.StorageKey = blob.Key(activityID, itemID, doc.ID, doc.FileName)
	counted := &countingReader{r: up.Body}
	size := up.Size
	if size <= 0 {
		size = -1
	}
	if err := e.Blobs.Put(ctx, doc.StorageKey, counted, size, up.FileType); err != nil {
		return domain.EvidenceDocument{}, fmt.Errorf("store document: %w", err)
	}
	doc.FileSize = counted.n
	if err := e.recordDocument(ctx, doc, actorID); err != nil {
		if derr := e.Blobs.Delete(context.WithoutCancel(ctx), doc.StorageKey); derr != nil {
			slog.WarnContext(ctx, "orphaned evidence object", "key", doc.StorageKey, "err", derr)
		}
		return domain.EvidenceDocument{}, err
	}
	if err := e.decorate(ctx, &doc); err != nil {
		return doc, err
	}
	return doc, nil
}

func (e Engine) recordDocument(ctx context.Context, doc domain.EvidenceDocument, actorID string) error {
	tx, err := e.begin(ctx)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	if err := e.ensureItemMutable(ctx, tx, doc.ActivityID, doc.ItemID); err != nil {
		return err
	}
	if _, err := e.Repo.GetResponse(ctx, tx, doc.ActivityID, doc.ItemID); errors.Is(err, repo.ErrNotFound) {
		resp := domain.ItemResponse{
			ActivityID: doc.ActivityID,
			ItemID:     doc.ItemID,
			Status:     domain.StatusNotCompleted,
			UpdatedBy:  actorID,
			UpdatedAt:  doc.UploadedAt,
		}
		if err := e.Repo.UpsertResponse(ctx, tx, resp); err != nil {
			return err
		}
	} else if err != nil {
		return err
	}
	if err := e.Repo.InsertDocument(ctx, tx, doc); err != nil {
		return fmt.Errorf("insert document: %w", err)
	}
	payload := events.EventPayload{"item_id": doc.ItemID, "file_name": doc.FileName, "file_size": doc.FileSize}
	if err := e.eventsWriter().Append(ctx, tx, events.TypeDocumentUploaded, doc.ActivityID, "document", doc.ID, actorID, payload); err != nil {
		return err
	}
	return tx.Commit()
}

func (e Engine) DeleteDocument(ctx context.Context, activityID, documentID, actorID string) error {
	tx, err := e.begin(ctx)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	doc, err := e.Repo.GetDocument(ctx, tx, activityID, documentID)
	if errors.Is(err, repo.ErrNotFound) {
		return domain.NotFoundError{Entity: "document", ID: documentID}
	}
	if err != nil {
		return err
	}
	if err := e.ensureItemMutable(ctx, tx, activityID, doc.ItemID); err != nil {
		return err
	}
	if err := e.Repo.DeleteDocument(ctx, tx, documentID); err != nil {
		return err
	}
	payload := events.EventPayload{"item_id": doc.ItemID, "file_name": doc.FileName}
	if err := e.eventsWriter().Append(ctx, tx, events.TypeDocumentDeleted, activityID, "document", documentID, actorID, payload); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return err
	}
	if e.Blobs != nil {
		if err := e.Blobs.Delete(ctx, doc.StorageKey); err != nil {
			slog.WarnContext(ctx, "delete evidence object", "key", doc.StorageKey, "err", err)
		}
	}
	return nil
}

// SignOff records the attestation for a stage. The gate runs on the data
// read inside the transaction; the primary key on (activity, stage) turns a
// concurrent second sign-off into a conflict.
func (e Engine) SignOff(ctx context.Context, activityID, stageID string, att domain.Attestation, actorID string) (domain.StageSignoff, error) {
	tx, err := e.begin(ctx)
	if err != nil {
		return domain.StageSignoff{}, err
	}
	defer tx.Rollback()
	state, err := e.stateTx(ctx, tx, activityID)
	if err != nil {
		return domain.StageSignoff{}, err
	}
	stage, ok := state.Stage(stageID)
	if !ok {
		return domain.StageSignoff{}, domain.NotFoundError{Entity: "stage", ID: stageID}
	}
	if strings.TrimSpace(att.SignedOffBy) == "" {
		att.SignedOffBy = actorID
	}
	so, err := checklist.NewSignoff(activityID, stage, att, e.now())
	if err != nil {
		return domain.StageSignoff{}, err
	}
	if err := e.Repo.InsertSignoff(ctx, tx, so); err != nil {
		if errors.Is(err, repo.ErrConflict) {
			return domain.StageSignoff{}, domain.ConflictError{Reason: fmt.Sprintf("stage %s already signed off", stageID)}
		}
		return domain.StageSignoff{}, err
	}
	payload := events.EventPayload{
		"stage_id":           stageID,
		"signature_title":    so.SignatureTitle,
		"items_completed":    so.ItemsCompleted,
		"items_not_required": so.ItemsNotRequired,
		"items_total":        so.ItemsTotal,
	}
	if err := e.eventsWriter().Append(ctx, tx, events.TypeStageSignedOff, activityID, "stage", stageID, actorID, payload); err != nil {
		return domain.StageSignoff{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.StageSignoff{}, err
	}
	return so, nil
}

func (e Engine) GovernmentOrganizations(ctx context.Context) ([]domain.Organization, error) {
	return e.Repo.ListOrganizations(ctx, orgTypeGovernment)
}

// Endorsement returns the stored endorsement, or an empty one.
func (e Engine) Endorsement(ctx context.Context, activityID string) (domain.Endorsement, error) {
	en, err := e.Repo.GetEndorsement(ctx, nil, activityID)
	if errors.Is(err, repo.ErrNotFound) {
		return domain.Endorsement{ActivityID: activityID}, nil
	}
	return en, err
}

func (e Engine) SaveEndorsement(ctx context.Context, activityID string, f domain.EndorsementFields, actorID string) (domain.Endorsement, error) {
	tx, err := e.begin(ctx)
	if err != nil {
		return domain.Endorsement{}, err
	}
	defer tx.Rollback()
	if f.GovernmentOrgID != "" {
		org, err := e.Repo.GetOrganization(ctx, tx, f.GovernmentOrgID)
		if errors.Is(err, repo.ErrNotFound) {
			return domain.Endorsement{}, domain.ValidationError{Field: "government_org_id", Reason: fmt.Sprintf("unknown organization %s", f.GovernmentOrgID)}
		}
		if err != nil {
			return domain.Endorsement{}, err
		}
		if org.Type != orgTypeGovernment {
			return domain.Endorsement{}, domain.ValidationError{Field: "government_org_id", Reason: fmt.Sprintf("organization %s is not a government organization", org.ID)}
		}
	}
	en := domain.Endorsement{
		ActivityID:      activityID,
		GovernmentOrgID: f.GovernmentOrgID,
		OfficerName:     f.OfficerName,
		OfficerTitle:    f.OfficerTitle,
		EndorsementRef:  f.EndorsementRef,
		Remarks:         f.Remarks,
		UpdatedBy:       actorID,
		UpdatedAt:       e.stamp(),
	}
	if err := e.Repo.UpsertEndorsement(ctx, tx, en); err != nil {
		return domain.Endorsement{}, err
	}
	if err := e.eventsWriter().Append(ctx, tx, events.TypeEndorsementSaved, activityID, "endorsement", activityID, actorID, events.EventPayload{"government_org_id": f.GovernmentOrgID}); err != nil {
		return domain.Endorsement{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.Endorsement{}, err
	}
	return en, nil
}

// Events lists audit events newest first.
func (e Engine) ListEvents(ctx context.Context, limit int, cursor int64, f repo.EventFilter) ([]domain.Event, error) {
	return e.Repo.LatestEvents(ctx, limit, cursor, f)
}

func (e Engine) eventsWriter() events.Writer {
	w := e.Events
	if w.Now == nil {
		w.Now = e.now
	}
	return w
}

func (e Engine) ensureItemMutable(ctx context.Context, tx *sql.Tx, activityID, itemID string) error {
	state, err := e.stateTx(ctx, tx, activityID)
	if err != nil {
		return err
	}
	stage, ok := state.StageOfItem(itemID)
	if !ok {
		return domain.NotFoundError{Entity: "item", ID: itemID}
	}
	return checklist.EnsureMutable(stage)
}

func (e Engine) decorate(ctx context.Context, d *domain.EvidenceDocument) error {
	if e.Blobs == nil || d.StorageKey == "" {
		return nil
	}
	u, err := e.Blobs.URL(ctx, d.StorageKey)
	if err != nil {
		return fmt.Errorf("document url: %w", err)
	}
	d.FileURL = u
	return nil
}

// checkAxis validates an optional configuration value against the
// catalog's allowed list. Blank values clear the axis.
func checkAxis(field string, v *string, allowed []string) (*string, error) {
	if v == nil {
		return nil, nil
	}
	s := strings.TrimSpace(*v)
	if s == "" {
		return nil, nil
	}
	if len(allowed) == 0 {
		return &s, nil
	}
	for _, a := range allowed {
		if a == s {
			return &s, nil
		}
	}
	return nil, domain.ValidationError{Field: field, Reason: fmt.Sprintf("must be one of %s; got %q", strings.Join(allowed, ", "), s)}
}

func deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}

type countingReader struct {
	r io.Reader
	n int64
}

func (c *countingReader) Read(p []byte) (int, error) {
	n, err := c.r.Read(p)
	c.n += int64(n)
	return n, err
}

package repo

import (
	"context"
	"database/sql"

	"readiness/internal/domain"
)

func (r Repo) GetActivityConfig(ctx context.Context, tx *sql.Tx, activityID string) (domain.ActivityConfig, error) {
	cfg := domain.ActivityConfig{ActivityID: activityID}
	var ft, fm sql.NullString
	var infra int
	err := r.q(tx).QueryRowContext(ctx, `SELECT financing_type,financing_modality,is_infrastructure,updated_by,updated_at FROM activity_configs WHERE activity_id=?`, activityID).
		Scan(&ft, &fm, &infra, &cfg.UpdatedBy, &cfg.UpdatedAt)
	if err == sql.ErrNoRows {
		return cfg, ErrNotFound
	}
	if err != nil {
		return cfg, err
	}
	cfg.FinancingType = stringPtr(ft)
	cfg.FinancingModality = stringPtr(fm)
	cfg.IsInfrastructure = infra == 1
	return cfg, nil
}

func (r Repo) UpsertActivityConfig(ctx context.Context, tx *sql.Tx, cfg domain.ActivityConfig) error {
	_, err := tx.ExecContext(ctx, `INSERT INTO activity_configs(activity_id,financing_type,financing_modality,is_infrastructure,updated_by,updated_at) VALUES (?,?,?,?,?,?)
ON CONFLICT(activity_id) DO UPDATE SET financing_type=excluded.financing_type, financing_modality=excluded.financing_modality,
is_infrastructure=excluded.is_infrastructure, updated_by=excluded.updated_by, updated_at=excluded.updated_at`,
		cfg.ActivityID, nullableStringPtr(cfg.FinancingType), nullableStringPtr(cfg.FinancingModality), boolInt(cfg.IsInfrastructure), cfg.UpdatedBy, cfg.UpdatedAt)
	return err
}

// ListResponses returns the responses of an activity keyed by item id,
// with their documents attached.
func (r Repo) ListResponses(ctx context.Context, tx *sql.Tx, activityID string) (map[string]domain.ItemResponse, error) {
	q := r.q(tx)
	rows, err := q.QueryContext(ctx, `SELECT item_id,status,note,updated_by,updated_at FROM item_responses WHERE activity_id=?`, activityID)
	if err != nil {
		return nil, err
	}
	res := map[string]domain.ItemResponse{}
	for rows.Next() {
		resp := domain.ItemResponse{ActivityID: activityID, Documents: []domain.EvidenceDocument{}}
		if err := rows.Scan(&resp.ItemID, &resp.Status, &resp.Note, &resp.UpdatedBy, &resp.UpdatedAt); err != nil {
			rows.Close()
			return nil, err
		}
		res[resp.ItemID] = resp
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, err
	}
	docs, err := r.listDocuments(ctx, q, `WHERE activity_id=?`, activityID)
	if err != nil {
		return nil, err
	}
	for _, d := range docs {
		resp, ok := res[d.ItemID]
		if !ok {
			continue
		}
		resp.Documents = append(resp.Documents, d)
		res[d.ItemID] = resp
	}
	return res, nil
}

func (r Repo) GetResponse(ctx context.Context, tx *sql.Tx, activityID, itemID string) (domain.ItemResponse, error) {
	q := r.q(tx)
	resp := domain.ItemResponse{ActivityID: activityID, ItemID: itemID}
	err := q.QueryRowContext(ctx, `SELECT status,note,updated_by,updated_at FROM item_responses WHERE activity_id=? AND item_id=?`, activityID, itemID).
		Scan(&resp.Status, &resp.Note, &resp.UpdatedBy, &resp.UpdatedAt)
	if err == sql.ErrNoRows {
		return resp, ErrNotFound
	}
	if err != nil {
		return resp, err
	}
	resp.Documents, err = r.listDocuments(ctx, q, `WHERE activity_id=? AND item_id=?`, activityID, itemID)
	return resp, err
}

func (r Repo) UpsertResponse(ctx context.Context, tx *sql.Tx, resp domain.ItemResponse) error {
	_, err := tx.ExecContext(ctx, `INSERT INTO item_responses(activity_id,item_id,status,note,updated_by,updated_at) VALUES (?,?,?,?,?,?)
ON CONFLICT(activity_id,item_id) DO UPDATE SET status=excluded.status, note=excluded.note, updated_by=excluded.updated_by, updated_at=excluded.updated_at`,
		resp.ActivityID, resp.ItemID, resp.Status, resp.Note, resp.UpdatedBy, resp.UpdatedAt)
	return err
}

func (r Repo) InsertDocument(ctx context.Context, tx *sql.Tx, d domain.EvidenceDocument) error {
	_, err := tx.ExecContext(ctx, `INSERT INTO evidence_documents(id,activity_id,item_id,file_name,file_type,file_size,storage_key,uploaded_by,uploaded_at) VALUES (?,?,?,?,?,?,?,?,?)`,
		d.ID, d.ActivityID, d.ItemID, d.FileName, d.FileType, d.FileSize, d.StorageKey, d.UploadedBy, d.UploadedAt)
	return err
}

func (r Repo) GetDocument(ctx context.Context, tx *sql.Tx, activityID, documentID string) (domain.EvidenceDocument, error) {
	docs, err := r.listDocuments(ctx, r.q(tx), `WHERE activity_id=? AND id=?`, activityID, documentID)
	if err != nil {
		return domain.EvidenceDocument{}, err
	}
	if len(docs) == 0 {
		return domain.EvidenceDocument{}, ErrNotFound
	}
	return docs[0], nil
}

func (r Repo) DeleteDocument(ctx context.Context, tx *sql.Tx, documentID string) error {
	res, err := tx.ExecContext(ctx, `DELETE FROM evidence_documents WHERE id=?`, documentID)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func (r Repo) listDocuments(ctx context.Context, q querier, where string, args ...any) ([]domain.EvidenceDocument, error) {
	rows, err := q.QueryContext(ctx, `SELECT id,activity_id,item_id,file_name,file_type,file_size,storage_key,uploaded_by,uploaded_at FROM evidence_documents `+where+` ORDER BY uploaded_at, id`, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	res := []domain.EvidenceDocument{}
	for rows.Next() {
		var d domain.EvidenceDocument
		if err := rows.Scan(&d.ID, &d.ActivityID, &d.ItemID, &d.FileName, &d.FileType, &d.FileSize, &d.StorageKey, &d.UploadedBy, &d.UploadedAt); err != nil {
			return nil, err
		}
		res = append(res, d)
	}
	return res, rows.Err()
}

func (r Repo) ListSignoffs(ctx context.Context, tx *sql.Tx, activityID string) (map[string]domain.StageSignoff, error) {
	rows, err := r.q(tx).QueryContext(ctx, `SELECT stage_id,signed_off_by,signature_title,remarks,signed_off_at,items_completed,items_not_required,items_total FROM stage_signoffs WHERE activity_id=?`, activityID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	res := map[string]domain.StageSignoff{}
	for rows.Next() {
		so := domain.StageSignoff{ActivityID: activityID}
		if err := rows.Scan(&so.StageID, &so.SignedOffBy, &so.SignatureTitle, &so.Remarks, &so.SignedOffAt, &so.ItemsCompleted, &so.ItemsNotRequired, &so.ItemsTotal); err != nil {
			return nil, err
		}
		res[so.StageID] = so
	}
	return res, rows.Err()
}

// InsertSignoff returns ErrConflict when the stage is already signed.
func (r Repo) InsertSignoff(ctx context.Context, tx *sql.Tx, so domain.StageSignoff) error {
	_, err := tx.ExecContext(ctx, `INSERT INTO stage_signoffs(activity_id,stage_id,signed_off_by,signature_title,remarks,signed_off_at,items_completed,items_not_required,items_total) VALUES (?,?,?,?,?,?,?,?,?)`,
		so.ActivityID, so.StageID, so.SignedOffBy, so.SignatureTitle, so.Remarks, so.SignedOffAt, so.ItemsCompleted, so.ItemsNotRequired, so.ItemsTotal)
	if isConstraint(err) {
		return ErrConflict
	}
	return err
}

func (r Repo) GetEndorsement(ctx context.Context, tx *sql.Tx, activityID string) (domain.Endorsement, error) {
	e := domain.Endorsement{ActivityID: activityID}
	var org sql.NullString
	err := r.q(tx).QueryRowContext(ctx, `SELECT government_org_id,officer_name,officer_title,endorsement_ref,remarks,updated_by,updated_at FROM endorsements WHERE activity_id=?`, activityID).
		Scan(&org, &e.OfficerName, &e.OfficerTitle, &e.EndorsementRef, &e.Remarks, &e.UpdatedBy, &e.UpdatedAt)
	if err == sql.ErrNoRows {
		return e, ErrNotFound
	}
	if org.Valid {
		e.GovernmentOrgID = org.String
	}
	return e, err
}

func (r Repo) UpsertEndorsement(ctx context.Context, tx *sql.Tx, e domain.Endorsement) error {
	_, err := tx.ExecContext(ctx, `INSERT INTO endorsements(activity_id,government_org_id,officer_name,officer_title,endorsement_ref,remarks,updated_by,updated_at) VALUES (?,?,?,?,?,?,?,?)
ON CONFLICT(activity_id) DO UPDATE SET government_org_id=excluded.government_org_id, officer_name=excluded.officer_name, officer_title=excluded.officer_title,
endorsement_ref=excluded.endorsement_ref, remarks=excluded.remarks, updated_by=excluded.updated_by, updated_at=excluded.updated_at`,
		e.ActivityID, nullable(e.GovernmentOrgID), e.OfficerName, e.OfficerTitle, e.EndorsementRef, e.Remarks, e.UpdatedBy, e.UpdatedAt)
	return err
}

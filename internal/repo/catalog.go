package repo

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"

	"readiness/internal/domain"
)

const (
	axisFinancingType     = "financing_type"
	axisFinancingModality = "financing_modality"
)

// ReplaceCatalog swaps stages, item templates and allowed values. Responses
// and sign-offs keyed by removed ids are kept.
func (r Repo) ReplaceCatalog(ctx context.Context, tx *sql.Tx, cat domain.Catalog) error {
	for _, stmt := range []string{`DELETE FROM item_templates`, `DELETE FROM stages`, `DELETE FROM catalog_values`} {
		if _, err := tx.ExecContext(ctx, stmt); err != nil {
			return err
		}
	}
	for _, st := range cat.Stages {
		if _, err := tx.ExecContext(ctx, `INSERT INTO stages(id,title,position) VALUES (?,?,?)`, st.ID, st.Title, st.Position); err != nil {
			return fmt.Errorf("insert stage %s: %w", st.ID, err)
		}
	}
	for _, it := range cat.Items {
		types, err := json.Marshal(nonNil(it.FinancingTypes))
		if err != nil {
			return err
		}
		modalities, err := json.Marshal(nonNil(it.FinancingModalities))
		if err != nil {
			return err
		}
		_, err = tx.ExecContext(ctx, `INSERT INTO item_templates(id,stage_id,title,description,position,required,financing_types_json,financing_modalities_json,infrastructure_only) VALUES (?,?,?,?,?,?,?,?,?)`,
			it.ID, it.StageID, it.Title, it.Description, it.Position, boolInt(it.Required), string(types), string(modalities), boolInt(it.InfrastructureOnly))
		if err != nil {
			return fmt.Errorf("insert item %s: %w", it.ID, err)
		}
	}
	for axis, values := range map[string][]string{axisFinancingType: cat.FinancingTypes, axisFinancingModality: cat.FinancingModalities} {
		for i, v := range values {
			if _, err := tx.ExecContext(ctx, `INSERT INTO catalog_values(axis,value,position) VALUES (?,?,?)`, axis, v, i); err != nil {
				return err
			}
		}
	}
	return nil
}

// LoadCatalog reads the catalog in display order.
func (r Repo) LoadCatalog(ctx context.Context, tx *sql.Tx) (domain.Catalog, error) {
	q := r.q(tx)
	var cat domain.Catalog
	rows, err := q.QueryContext(ctx, `SELECT id,title,position FROM stages ORDER BY position, id`)
	if err != nil {
		return cat, err
	}
	for rows.Next() {
		var st domain.Stage
		if err := rows.Scan(&st.ID, &st.Title, &st.Position); err != nil {
			rows.Close()
			return cat, err
		}
		cat.Stages = append(cat.Stages, st)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return cat, err
	}

	rows, err = q.QueryContext(ctx, `SELECT i.id,i.stage_id,i.title,i.description,i.position,i.required,i.financing_types_json,i.financing_modalities_json,i.infrastructure_only
FROM item_templates i JOIN stages s ON s.id=i.stage_id ORDER BY s.position, i.position, i.id`)
	if err != nil {
		return cat, err
	}
	for rows.Next() {
		var it domain.ChecklistItemTemplate
		var required, infra int
		var types, modalities string
		if err := rows.Scan(&it.ID, &it.StageID, &it.Title, &it.Description, &it.Position, &required, &types, &modalities, &infra); err != nil {
			rows.Close()
			return cat, err
		}
		it.Required = required == 1
		it.InfrastructureOnly = infra == 1
		if err := json.Unmarshal([]byte(types), &it.FinancingTypes); err != nil {
			rows.Close()
			return cat, fmt.Errorf("item %s financing types: %w", it.ID, err)
		}
		if err := json.Unmarshal([]byte(modalities), &it.FinancingModalities); err != nil {
			rows.Close()
			return cat, fmt.Errorf("item %s financing modalities: %w", it.ID, err)
		}
		cat.Items = append(cat.Items, it)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return cat, err
	}

	rows, err = q.QueryContext(ctx, `SELECT axis,value FROM catalog_values ORDER BY axis, position`)
	if err != nil {
		return cat, err
	}
	defer rows.Close()
	for rows.Next() {
		var axis, value string
		if err := rows.Scan(&axis, &value); err != nil {
			return cat, err
		}
		switch axis {
		case axisFinancingType:
			cat.FinancingTypes = append(cat.FinancingTypes, value)
		case axisFinancingModality:
			cat.FinancingModalities = append(cat.FinancingModalities, value)
		}
	}
	return cat, rows.Err()
}

// UpsertOrganizations inserts or refreshes reference organizations.
func (r Repo) UpsertOrganizations(ctx context.Context, tx *sql.Tx, orgs []domain.Organization) error {
	for _, o := range orgs {
		_, err := tx.ExecContext(ctx, `INSERT INTO organizations(id,name,short_name,iati_identifier,type) VALUES (?,?,?,?,?)
ON CONFLICT(id) DO UPDATE SET name=excluded.name, short_name=excluded.short_name, iati_identifier=excluded.iati_identifier, type=excluded.type`,
			o.ID, o.Name, o.ShortName, o.IATIIdentifier, o.Type)
		if err != nil {
			return fmt.Errorf("upsert organization %s: %w", o.ID, err)
		}
	}
	return nil
}

// ListOrganizations returns organizations of orgType, or all when empty.
func (r Repo) ListOrganizations(ctx context.Context, orgType string) ([]domain.Organization, error) {
	query := `SELECT id,name,short_name,iati_identifier,type FROM organizations`
	var args []any
	if orgType != "" {
		query += ` WHERE type=?`
		args = append(args, orgType)
	}
	query += ` ORDER BY name, id`
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	res := []domain.Organization{}
	for rows.Next() {
		var o domain.Organization
		if err := rows.Scan(&o.ID, &o.Name, &o.ShortName, &o.IATIIdentifier, &o.Type); err != nil {
			return nil, err
		}
		res = append(res, o)
	}
	return res, rows.Err()
}

func (r Repo) GetOrganization(ctx context.Context, tx *sql.Tx, id string) (domain.Organization, error) {
	var o domain.Organization
	err := r.q(tx).QueryRowContext(ctx, `SELECT id,name,short_name,iati_identifier,type FROM organizations WHERE id=?`, id).
		Scan(&o.ID, &o.Name, &o.ShortName, &o.IATIIdentifier, &o.Type)
	if err == sql.ErrNoRows {
		return o, ErrNotFound
	}
	return o, err
}

func nonNil(v []string) []string {
	if v == nil {
		return []string{}
	}
	return v
}

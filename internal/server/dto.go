package server

import (
	"readiness/internal/domain"
)

// Request payloads

type UpdateConfigRequest struct {
	FinancingType     *string `json:"financing_type,omitempty" doc:"Catalog financing type; empty clears the axis"`
	FinancingModality *string `json:"financing_modality,omitempty" doc:"Catalog financing modality; empty clears the axis"`
	IsInfrastructure  bool    `json:"is_infrastructure,omitempty"`
}

func (r UpdateConfigRequest) toDomain() domain.ConfigUpdate {
	return domain.ConfigUpdate{
		FinancingType:     r.FinancingType,
		FinancingModality: r.FinancingModality,
		IsInfrastructure:  r.IsInfrastructure,
	}
}

type UpdateItemRequest struct {
	Status string  `json:"status" enum:"not_completed,in_progress,completed,not_required"`
	Note   *string `json:"note,omitempty"`
}

func (r UpdateItemRequest) toDomain() domain.ResponseUpdate {
	return domain.ResponseUpdate{Status: domain.Status(r.Status), Note: r.Note}
}

type SignOffRequest struct {
	SignedOffBy    string `json:"signed_off_by,omitempty"`
	SignatureTitle string `json:"signature_title"`
	Remarks        string `json:"remarks,omitempty"`
}

func (r SignOffRequest) toDomain() domain.Attestation {
	return domain.Attestation{
		SignedOffBy:    r.SignedOffBy,
		SignatureTitle: r.SignatureTitle,
		Remarks:        r.Remarks,
	}
}

type SaveEndorsementRequest struct {
	GovernmentOrgID string `json:"government_org_id,omitempty"`
	OfficerName     string `json:"officer_name,omitempty"`
	OfficerTitle    string `json:"officer_title,omitempty"`
	EndorsementRef  string `json:"endorsement_ref,omitempty"`
	Remarks         string `json:"remarks,omitempty"`
}

func (r SaveEndorsementRequest) toDomain() domain.EndorsementFields {
	return domain.EndorsementFields{
		GovernmentOrgID: r.GovernmentOrgID,
		OfficerName:     r.OfficerName,
		OfficerTitle:    r.OfficerTitle,
		EndorsementRef:  r.EndorsementRef,
		Remarks:         r.Remarks,
	}
}

// Response payloads

type OrganizationsResponse struct {
	Items []domain.Organization `json:"items"`
}

type EventsResponse struct {
	Items      []domain.Event `json:"items"`
	NextCursor int64          `json:"next_cursor,omitempty"`
}

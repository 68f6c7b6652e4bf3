package domain

// Status is the response status of a checklist item.
type Status string

const (
	StatusNotCompleted Status = "not_completed"
	StatusInProgress   Status = "in_progress"
	StatusCompleted    Status = "completed"
	StatusNotRequired  Status = "not_required"
)

// Valid reports whether s is one of the four response statuses.
func (s Status) Valid() bool {
	switch s {
	case StatusNotCompleted, StatusInProgress, StatusCompleted, StatusNotRequired:
		return true
	}
	return false
}

// Done reports whether s counts toward stage completion.
func (s Status) Done() bool {
	return s == StatusCompleted || s == StatusNotRequired
}

// StageState is the sign-off state of a stage.
type StageState string

const (
	StageOpen   StageState = "open"
	StageReady  StageState = "ready"
	StageSigned StageState = "signed"
)

type Stage struct {
	ID       string `json:"id"`
	Title    string `json:"title"`
	Position int    `json:"position"`
}

// ChecklistItemTemplate is catalog reference data. Empty restriction lists
// mean the item applies to every value on that axis.
type ChecklistItemTemplate struct {
	ID                  string   `json:"id"`
	StageID             string   `json:"stage_id"`
	Title               string   `json:"title"`
	Description         string   `json:"description,omitempty"`
	Position            int      `json:"position"`
	Required            bool     `json:"required"`
	FinancingTypes      []string `json:"financing_types,omitempty"`
	FinancingModalities []string `json:"financing_modalities,omitempty"`
	InfrastructureOnly  bool     `json:"infrastructure_only,omitempty"`
}

// ApplicabilityContext is the subset of activity configuration that drives
// item applicability.
type ApplicabilityContext struct {
	FinancingType     *string `json:"financing_type"`
	FinancingModality *string `json:"financing_modality"`
	IsInfrastructure  bool    `json:"is_infrastructure"`
}

type ActivityConfig struct {
	ActivityID        string  `json:"activity_id"`
	FinancingType     *string `json:"financing_type"`
	FinancingModality *string `json:"financing_modality"`
	IsInfrastructure  bool    `json:"is_infrastructure"`
	UpdatedBy         string  `json:"updated_by,omitempty"`
	UpdatedAt         string  `json:"updated_at,omitempty" format:"date-time"`
}

// Context returns the applicability context of the configuration.
func (c ActivityConfig) Context() ApplicabilityContext {
	return ApplicabilityContext{
		FinancingType:     c.FinancingType,
		FinancingModality: c.FinancingModality,
		IsInfrastructure:  c.IsInfrastructure,
	}
}

type EvidenceDocument struct {
	ID         string `json:"id"`
	ActivityID string `json:"activity_id"`
	ItemID     string `json:"item_id"`
	FileName   string `json:"file_name"`
	FileType   string `json:"file_type"`
	FileSize   int64  `json:"file_size"`
	FileURL    string `json:"file_url"`
	StorageKey string `json:"-"`
	UploadedBy string `json:"uploaded_by"`
	UploadedAt string `json:"uploaded_at" format:"date-time"`
}

type ItemResponse struct {
	ActivityID string             `json:"activity_id"`
	ItemID     string             `json:"item_id"`
	Status     Status             `json:"status" enum:"not_completed,in_progress,completed,not_required"`
	Note       string             `json:"note,omitempty"`
	Documents  []EvidenceDocument `json:"documents"`
	UpdatedBy  string             `json:"updated_by,omitempty"`
	UpdatedAt  string             `json:"updated_at,omitempty" format:"date-time"`
}

// StageSignoff is the immutable attestation for a stage. The item counts are
// frozen at signing time.
type StageSignoff struct {
	ActivityID       string `json:"activity_id"`
	StageID          string `json:"stage_id"`
	SignedOffBy      string `json:"signed_off_by"`
	SignatureTitle   string `json:"signature_title"`
	Remarks          string `json:"remarks,omitempty"`
	SignedOffAt      string `json:"signed_off_at" format:"date-time"`
	ItemsCompleted   int    `json:"items_completed"`
	ItemsNotRequired int    `json:"items_not_required"`
	ItemsTotal       int    `json:"items_total"`
}

// Attestation is the caller-supplied part of a sign-off.
type Attestation struct {
	SignedOffBy    string `json:"signed_off_by"`
	SignatureTitle string `json:"signature_title"`
	Remarks        string `json:"remarks,omitempty"`
}

type ProgressSummary struct {
	Completed    int `json:"completed"`
	InProgress   int `json:"in_progress"`
	NotRequired  int `json:"not_required"`
	NotCompleted int `json:"not_completed"`
	Total        int `json:"total"`
	Percentage   int `json:"percentage"`
}

type OverallProgress struct {
	ProgressSummary
	StagesSignedOff int `json:"stages_signed_off"`
	TotalStages     int `json:"total_stages"`
}

// ItemView pairs a template with its response for one activity.
type ItemView struct {
	Template        ChecklistItemTemplate `json:"template"`
	Response        *ItemResponse         `json:"response,omitempty"`
	Applicable      bool                  `json:"applicable"`
	EffectiveStatus Status                `json:"effective_status"`
}

type StageView struct {
	Stage    Stage           `json:"stage"`
	Items    []ItemView      `json:"items"`
	Progress ProgressSummary `json:"progress"`
	Signoff  *StageSignoff   `json:"signoff,omitempty"`
	State    StageState      `json:"state" enum:"open,ready,signed"`
}

type ReadinessState struct {
	Config          ActivityConfig  `json:"config"`
	Stages          []StageView     `json:"stages"`
	OverallProgress OverallProgress `json:"overall_progress"`
}

// Stage returns the view for stageID.
func (s ReadinessState) Stage(stageID string) (StageView, bool) {
	for _, st := range s.Stages {
		if st.Stage.ID == stageID {
			return st, true
		}
	}
	return StageView{}, false
}

// StageOfItem returns the stage view containing itemID.
func (s ReadinessState) StageOfItem(itemID string) (StageView, bool) {
	for _, st := range s.Stages {
		for _, it := range st.Items {
			if it.Template.ID == itemID {
				return st, true
			}
		}
	}
	return StageView{}, false
}

type Organization struct {
	ID             string `json:"id"`
	Name           string `json:"name"`
	ShortName      string `json:"short_name,omitempty"`
	IATIIdentifier string `json:"iati_identifier,omitempty"`
	Type           string `json:"type"`
}

// Endorsement is the free-text government endorsement sub-form.
type Endorsement struct {
	ActivityID      string `json:"activity_id"`
	GovernmentOrgID string `json:"government_org_id,omitempty"`
	OfficerName     string `json:"officer_name,omitempty"`
	OfficerTitle    string `json:"officer_title,omitempty"`
	EndorsementRef  string `json:"endorsement_ref,omitempty"`
	Remarks         string `json:"remarks,omitempty"`
	UpdatedBy       string `json:"updated_by,omitempty"`
	UpdatedAt       string `json:"updated_at,omitempty" format:"date-time"`
}

// Fields returns the editable part of the form, used by autosave.
func (e Endorsement) Fields() EndorsementFields {
	return EndorsementFields{
		GovernmentOrgID: e.GovernmentOrgID,
		OfficerName:     e.OfficerName,
		OfficerTitle:    e.OfficerTitle,
		EndorsementRef:  e.EndorsementRef,
		Remarks:         e.Remarks,
	}
}

type EndorsementFields struct {
	GovernmentOrgID string `json:"government_org_id"`
	OfficerName     string `json:"officer_name"`
	OfficerTitle    string `json:"officer_title"`
	EndorsementRef  string `json:"endorsement_ref"`
	Remarks         string `json:"remarks"`
}

type Event struct {
	ID         int64  `json:"id"`
	TS         string `json:"ts" format:"date-time"`
	Type       string `json:"type"`
	ActivityID string `json:"activity_id,omitempty"`
	EntityKind string `json:"entity_kind"`
	EntityID   string `json:"entity_id,omitempty"`
	ActorID    string `json:"actor_id"`
	Payload    string `json:"payload_json"`
}

// Catalog is the administrator-maintained checklist reference data.
type Catalog struct {
	Stages              []Stage                 `json:"stages"`
	Items               []ChecklistItemTemplate `json:"items"`
	FinancingTypes      []string                `json:"financing_types"`
	FinancingModalities []string                `json:"financing_modalities"`
}

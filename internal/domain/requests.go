package domain

import "io"

// ConfigUpdate replaces the applicability configuration of an activity.
type ConfigUpdate struct {
	FinancingType     *string `json:"financing_type"`
	FinancingModality *string `json:"financing_modality"`
	IsInfrastructure  bool    `json:"is_infrastructure"`
}

// ResponseUpdate sets the status of one item; a nil Note keeps the
// existing note.
type ResponseUpdate struct {
	Status Status  `json:"status"`
	Note   *string `json:"note,omitempty"`
}

// Upload is a binary evidence attachment in transit.
type Upload struct {
	FileName string
	FileType string
	Size     int64
	Body     io.Reader
}

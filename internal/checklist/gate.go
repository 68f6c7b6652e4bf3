package checklist

import (
	"fmt"
	"strings"
	"time"

	"readiness/internal/domain"
)

// CanSignOff reports whether every applicable item is completed or
// not_required. Permission is checked by the caller.
func CanSignOff(items []domain.ItemView) bool {
	for _, it := range items {
		if !StatusOf(it.Response).Done() {
			return false
		}
	}
	return true
}

// StageStateOf derives the sign-off state from applicable items and the
// existing sign-off record.
func StageStateOf(items []domain.ItemView, signoff *domain.StageSignoff) domain.StageState {
	if signoff != nil {
		return domain.StageSigned
	}
	if CanSignOff(items) {
		return domain.StageReady
	}
	return domain.StageOpen
}

// NewSignoff gates the Open/Ready -> Signed transition and freezes the
// current bucket counts into the record. Checks run in order: already
// signed, blank title, not ready.
func NewSignoff(activityID string, stage domain.StageView, att domain.Attestation, now time.Time) (domain.StageSignoff, error) {
	if stage.Signoff != nil {
		return domain.StageSignoff{}, domain.ConflictError{Reason: fmt.Sprintf("stage %s already signed off", stage.Stage.ID)}
	}
	title := strings.TrimSpace(att.SignatureTitle)
	if title == "" {
		return domain.StageSignoff{}, domain.ValidationError{Field: "signature_title", Reason: "is required"}
	}
	items := ApplicableItems(stage.Items)
	if !CanSignOff(items) {
		p := CalculateProgress(items)
		return domain.StageSignoff{}, domain.PreconditionError{
			Reason: fmt.Sprintf("stage %s has %d of %d applicable items outstanding", stage.Stage.ID, p.InProgress+p.NotCompleted, p.Total),
		}
	}
	p := CalculateProgress(items)
	return domain.StageSignoff{
		ActivityID:       activityID,
		StageID:          stage.Stage.ID,
		SignedOffBy:      att.SignedOffBy,
		SignatureTitle:   title,
		Remarks:          strings.TrimSpace(att.Remarks),
		SignedOffAt:      now.UTC().Format(time.RFC3339),
		ItemsCompleted:   p.Completed,
		ItemsNotRequired: p.NotRequired,
		ItemsTotal:       p.Total,
	}, nil
}

// EnsureMutable rejects item mutations in a signed stage.
func EnsureMutable(stage domain.StageView) error {
	if stage.Signoff != nil {
		return domain.PreconditionError{Reason: fmt.Sprintf("stage %s is signed off and read-only", stage.Stage.ID)}
	}
	return nil
}

// ValidateStatus rejects values outside the four response statuses.
func ValidateStatus(s domain.Status) error {
	if !s.Valid() {
		return domain.ValidationError{Field: "status", Reason: fmt.Sprintf("must be one of not_completed, in_progress, completed, not_required; got %q", s)}
	}
	return nil
}

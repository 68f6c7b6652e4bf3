package session

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"readiness/internal/autosave"
	"readiness/internal/domain"
)

// EndorsementForm is an open endorsement sub-form whose free-text fields are
// autosaved. Close it when the form is torn down.
type EndorsementForm struct {
	coord *autosave.Coordinator

	mu     sync.Mutex
	fields domain.EndorsementFields
}

// OpenEndorsement loads the current endorsement and starts autosaving edits
// after window of quiescence. onError receives failed saves.
func (s *Session) OpenEndorsement(ctx context.Context, window time.Duration, onError func(error)) (*EndorsementForm, error) {
	current, err := s.backend.GetEndorsement(ctx, s.activityID)
	if err != nil {
		return nil, err
	}
	persist := func(ctx context.Context, payload []byte) error {
		var f domain.EndorsementFields
		if err := json.Unmarshal(payload, &f); err != nil {
			return err
		}
		_, err := s.backend.SaveEndorsement(ctx, s.activityID, f)
		return err
	}
	opts := []autosave.Option{autosave.WithContext(context.WithoutCancel(ctx))}
	if onError != nil {
		opts = append(opts, autosave.WithErrorHandler(onError))
	}
	form := &EndorsementForm{
		coord:  autosave.New(window, persist, opts...),
		fields: current.Fields(),
	}
	if err := form.coord.MarkPersisted(form.fields); err != nil {
		return nil, err
	}
	return form, nil
}

// Fields returns the current, possibly unsaved, form values.
func (f *EndorsementForm) Fields() domain.EndorsementFields {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.fields
}

// Set edits one field by its JSON name. The coordinator sees edits in the
// order they were applied to the form.
func (f *EndorsementForm) Set(field, value string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	next := f.fields
	switch field {
	case "government_org_id":
		next.GovernmentOrgID = value
	case "officer_name":
		next.OfficerName = value
	case "officer_title":
		next.OfficerTitle = value
	case "endorsement_ref":
		next.EndorsementRef = value
	case "remarks":
		next.Remarks = value
	default:
		return domain.ValidationError{Field: field, Reason: "is not an endorsement field"}
	}
	f.fields = next
	return f.coord.Edit(next)
}

// Saves returns the number of persisted snapshots.
func (f *EndorsementForm) Saves() int { return f.coord.Saves() }

// Flush saves a pending edit immediately.
func (f *EndorsementForm) Flush(ctx context.Context) error { return f.coord.Flush(ctx) }

// Close cancels the autosave timer; a pending edit is dropped.
func (f *EndorsementForm) Close() { f.coord.Cancel() }

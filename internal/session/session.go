// Package session is the client-side readiness engine for one activity. It
// owns the last fetched state, runs the local gates before calling the
// backend, allows one mutation at a time and refetches after every write.
package session

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"readiness/internal/checklist"
	"readiness/internal/domain"
)

// Backend is the remote collaborator that persists readiness data.
type Backend interface {
	FetchState(ctx context.Context, activityID string) (domain.ReadinessState, error)
	UpdateConfig(ctx context.Context, activityID string, upd domain.ConfigUpdate) (domain.ActivityConfig, error)
	UpdateItemResponse(ctx context.Context, activityID, itemID string, upd domain.ResponseUpdate) (domain.ItemResponse, error)
	UploadDocument(ctx context.Context, activityID, itemID string, up domain.Upload) (domain.EvidenceDocument, error)
	DeleteDocument(ctx context.Context, activityID, documentID string) error
	SignOff(ctx context.Context, activityID, stageID string, att domain.Attestation) (domain.StageSignoff, error)
	ListGovernmentOrganizations(ctx context.Context) ([]domain.Organization, error)
	GetEndorsement(ctx context.Context, activityID string) (domain.Endorsement, error)
	SaveEndorsement(ctx context.Context, activityID string, fields domain.EndorsementFields) (domain.Endorsement, error)
}

type Session struct {
	backend    Backend
	activityID string
	now        func() time.Time

	mu           sync.Mutex
	state        domain.ReadinessState
	loaded       bool
	stale        bool
	busy         bool
	mutatingItem string
}

func New(b Backend, activityID string) *Session {
	return &Session{backend: b, activityID: activityID, now: time.Now}
}

func (s *Session) ActivityID() string { return s.activityID }

// Refresh replaces the held state with a fresh fetch. On failure the
// previous state is kept.
func (s *Session) Refresh(ctx context.Context) error {
	st, err := s.backend.FetchState(ctx, s.activityID)
	if err != nil {
		return err
	}
	s.mu.Lock()
	s.state = st
	s.loaded = true
	s.stale = false
	s.mu.Unlock()
	return nil
}

// refreshAfterWrite refetches after a committed write. A failed fetch marks
// the held state stale and is reported as StaleStateError so the write is
// not retried.
func (s *Session) refreshAfterWrite(ctx context.Context, op string) error {
	if err := s.Refresh(ctx); err != nil {
		s.mu.Lock()
		s.stale = true
		s.mu.Unlock()
		return domain.StaleStateError{Op: op, Err: err}
	}
	return nil
}

// Stale reports whether a committed write is missing from State because
// its refresh failed. The next successful Refresh clears it.
func (s *Session) Stale() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.stale
}

// State returns the last fetched state.
func (s *Session) State() domain.ReadinessState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Busy reports whether a mutation is outstanding and, if it targets one
// item, which.
func (s *Session) Busy() (bool, string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.busy, s.mutatingItem
}

// CanSignOff is true only for a Ready stage when the caller holds sign-off
// permission.
func (s *Session) CanSignOff(stageID string, hasPermission bool) bool {
	if !hasPermission {
		return false
	}
	st, ok := s.State().Stage(stageID)
	if !ok || st.Signoff != nil {
		return false
	}
	return checklist.CanSignOff(checklist.ApplicableItems(st.Items))
}

func (s *Session) UpdateConfig(ctx context.Context, upd domain.ConfigUpdate) (domain.ActivityConfig, error) {
	if err := s.begin(ctx, ""); err != nil {
		return domain.ActivityConfig{}, err
	}
	defer s.end()
	cfg, err := s.backend.UpdateConfig(ctx, s.activityID, upd)
	if err != nil {
		return domain.ActivityConfig{}, err
	}
	return cfg, s.refreshAfterWrite(ctx, "update config")
}

func (s *Session) UpdateItemResponse(ctx context.Context, itemID string, upd domain.ResponseUpdate) (domain.ItemResponse, error) {
	if err := checklist.ValidateStatus(upd.Status); err != nil {
		return domain.ItemResponse{}, err
	}
	if err := s.begin(ctx, itemID); err != nil {
		return domain.ItemResponse{}, err
	}
	defer s.end()
	if err := s.ensureItemMutable(itemID); err != nil {
		return domain.ItemResponse{}, err
	}
	resp, err := s.backend.UpdateItemResponse(ctx, s.activityID, itemID, upd)
	if err != nil {
		return domain.ItemResponse{}, err
	}
	return resp, s.refreshAfterWrite(ctx, "update item response")
}

func (s *Session) UploadDocument(ctx context.Context, itemID string, up domain.Upload) (domain.EvidenceDocument, error) {
	if strings.TrimSpace(up.FileName) == "" {
		return domain.EvidenceDocument{}, domain.ValidationError{Field: "file_name", Reason: "is required"}
	}
	if err := s.begin(ctx, itemID); err != nil {
		return domain.EvidenceDocument{}, err
	}
	defer s.end()
	if err := s.ensureItemMutable(itemID); err != nil {
		return domain.EvidenceDocument{}, err
	}
	doc, err := s.backend.UploadDocument(ctx, s.activityID, itemID, up)
	if err != nil {
		return domain.EvidenceDocument{}, err
	}
	return doc, s.refreshAfterWrite(ctx, "upload document")
}

func (s *Session) DeleteDocument(ctx context.Context, documentID string) error {
	itemID, ok := s.documentItem(documentID)
	if !ok {
		if err := s.Refresh(ctx); err != nil {
			return err
		}
		if itemID, ok = s.documentItem(documentID); !ok {
			return domain.NotFoundError{Entity: "document", ID: documentID}
		}
	}
	if err := s.begin(ctx, itemID); err != nil {
		return err
	}
	defer s.end()
	if err := s.ensureItemMutable(itemID); err != nil {
		return err
	}
	if err := s.backend.DeleteDocument(ctx, s.activityID, documentID); err != nil {
		return err
	}
	return s.refreshAfterWrite(ctx, "delete document")
}

// SignOff runs the gate locally, then asks the backend to record the
// attestation. The backend re-checks on its own data.
func (s *Session) SignOff(ctx context.Context, stageID string, att domain.Attestation) (domain.StageSignoff, error) {
	if err := s.begin(ctx, ""); err != nil {
		return domain.StageSignoff{}, err
	}
	defer s.end()
	st, ok := s.State().Stage(stageID)
	if !ok {
		return domain.StageSignoff{}, domain.NotFoundError{Entity: "stage", ID: stageID}
	}
	if _, err := checklist.NewSignoff(s.activityID, st, att, s.now()); err != nil {
		return domain.StageSignoff{}, err
	}
	so, err := s.backend.SignOff(ctx, s.activityID, stageID, att)
	if err != nil {
		return domain.StageSignoff{}, err
	}
	return so, s.refreshAfterWrite(ctx, "sign off")
}

func (s *Session) GovernmentOrganizations(ctx context.Context) ([]domain.Organization, error) {
	return s.backend.ListGovernmentOrganizations(ctx)
}

// begin claims the single mutation slot and loads state on first use.
func (s *Session) begin(ctx context.Context, itemID string) error {
	s.mu.Lock()
	if s.busy {
		current := s.mutatingItem
		s.mu.Unlock()
		if current != "" {
			return domain.PreconditionError{Reason: fmt.Sprintf("a change to item %s is still in flight", current)}
		}
		return domain.PreconditionError{Reason: "another change is still in flight"}
	}
	s.busy = true
	s.mutatingItem = itemID
	loaded := s.loaded
	s.mu.Unlock()
	if !loaded {
		if err := s.Refresh(ctx); err != nil {
			s.end()
			return err
		}
	}
	return nil
}

func (s *Session) end() {
	s.mu.Lock()
	s.busy = false
	s.mutatingItem = ""
	s.mu.Unlock()
}

func (s *Session) ensureItemMutable(itemID string) error {
	st, ok := s.State().StageOfItem(itemID)
	if !ok {
		return domain.NotFoundError{Entity: "item", ID: itemID}
	}
	return checklist.EnsureMutable(st)
}

func (s *Session) documentItem(documentID string) (string, bool) {
	for _, st := range s.State().Stages {
		for _, it := range st.Items {
			if it.Response == nil {
				continue
			}
			for _, d := range it.Response.Documents {
				if d.ID == documentID {
					return it.Template.ID, true
				}
			}
		}
	}
	return "", false
}

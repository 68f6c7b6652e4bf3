package engine

import (
	"context"

	"readiness/internal/domain"
	"readiness/internal/session"
)

// Local binds an Engine to one actor so a session can drive it in-process.
type Local struct {
	Engine  Engine
	ActorID string
}

var _ session.Backend = Local{}

func (l Local) FetchState(ctx context.Context, activityID string) (domain.ReadinessState, error) {
	return l.Engine.State(ctx, activityID)
}

func (l Local) UpdateConfig(ctx context.Context, activityID string, upd domain.ConfigUpdate) (domain.ActivityConfig, error) {
	return l.Engine.UpdateConfig(ctx, activityID, upd, l.ActorID)
}

func (l Local) UpdateItemResponse(ctx context.Context, activityID, itemID string, upd domain.ResponseUpdate) (domain.ItemResponse, error) {
	return l.Engine.UpdateItemResponse(ctx, activityID, itemID, upd, l.ActorID)
}

func (l Local) UploadDocument(ctx context.Context, activityID, itemID string, up domain.Upload) (domain.EvidenceDocument, error) {
	return l.Engine.UploadDocument(ctx, activityID, itemID, up, l.ActorID)
}

func (l Local) DeleteDocument(ctx context.Context, activityID, documentID string) error {
	return l.Engine.DeleteDocument(ctx, activityID, documentID, l.ActorID)
}

func (l Local) SignOff(ctx context.Context, activityID, stageID string, att domain.Attestation) (domain.StageSignoff, error) {
	return l.Engine.SignOff(ctx, activityID, stageID, att, l.ActorID)
}

func (l Local) ListGovernmentOrganizations(ctx context.Context) ([]domain.Organization, error) {
	return l.Engine.GovernmentOrganizations(ctx)
}

func (l Local) GetEndorsement(ctx context.Context, activityID string) (domain.Endorsement, error) {
	return l.Engine.Endorsement(ctx, activityID)
}

func (l Local) SaveEndorsement(ctx context.Context, activityID string, fields domain.EndorsementFields) (domain.Endorsement, error) {
	return l.Engine.SaveEndorsement(ctx, activityID, fields, l.ActorID)
}

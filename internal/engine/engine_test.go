package engine_test

import (
	"context"
	"strings"
	"testing"
	"time"

	"readiness/internal/blob"
	"readiness/internal/config"
	"readiness/internal/db"
	"readiness/internal/domain"
	"readiness/internal/engine"
	"readiness/internal/events"
	"readiness/internal/migrate"
	"readiness/internal/repo"
	"readiness/internal/session"
)

type testEnv struct {
	Engine engine.Engine
	Ctx    context.Context
}

func newTestEnv(t *testing.T) testEnv {
	t.Helper()
	dir := t.TempDir()
	conn, err := db.Open(db.Config{Workspace: dir})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	if err := migrate.Migrate(conn); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	store, err := blob.NewFS(db.BlobDir(dir), "")
	if err != nil {
		t.Fatalf("blob store: %v", err)
	}
	eng := engine.New(conn, store)
	eng.Now = func() time.Time { return time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC) }
	ctx := context.Background()
	cfg := config.Default()
	if err := eng.ImportCatalog(ctx, cfg.DomainCatalog(), cfg.DomainOrganizations(), "tester"); err != nil {
		t.Fatalf("import catalog: %v", err)
	}
	return testEnv{Engine: eng, Ctx: ctx}
}

func str(s string) *string { return &s }

func complete(t *testing.T, env testEnv, activityID string, items ...string) {
	t.Helper()
	for _, id := range items {
		if _, err := env.Engine.UpdateItemResponse(env.Ctx, activityID, id, domain.ResponseUpdate{Status: domain.StatusCompleted}, "tester"); err != nil {
			t.Fatalf("complete %s: %v", id, err)
		}
	}
}

func TestUnconfiguredActivityState(t *testing.T) {
	env := newTestEnv(t)
	st, err := env.Engine.State(env.Ctx, "act-1")
	if err != nil {
		t.Fatalf("state: %v", err)
	}
	if len(st.Stages) != 3 {
		t.Fatalf("expected 3 stages, got %d", len(st.Stages))
	}
	if st.OverallProgress.Total != 5 || st.OverallProgress.Percentage != 0 {
		t.Fatalf("unexpected overall progress %+v", st.OverallProgress)
	}
	if st.OverallProgress.TotalStages != 3 || st.OverallProgress.StagesSignedOff != 0 {
		t.Fatalf("unexpected stage counts %+v", st.OverallProgress)
	}
	if _, err := env.Engine.State(env.Ctx, " "); !domain.IsKind(err, domain.KindValidation) {
		t.Fatalf("expected validation error for blank activity, got %v", err)
	}
}

func TestConfigDrivesApplicability(t *testing.T) {
	env := newTestEnv(t)
	cfg, err := env.Engine.UpdateConfig(env.Ctx, "act-1", domain.ConfigUpdate{
		FinancingType:     str("loan"),
		FinancingModality: str("standard"),
		IsInfrastructure:  true,
	}, "tester")
	if err != nil {
		t.Fatalf("update config: %v", err)
	}
	if cfg.UpdatedBy != "tester" || cfg.UpdatedAt != "2024-01-01T00:00:00Z" {
		t.Fatalf("unexpected audit fields %+v", cfg)
	}
	st, err := env.Engine.State(env.Ctx, "act-1")
	if err != nil {
		t.Fatal(err)
	}
	if st.OverallProgress.Total != 10 {
		t.Fatalf("expected 10 applicable items, got %d", st.OverallProgress.Total)
	}
	appraisal, _ := st.Stage("appraisal")
	for _, it := range appraisal.Items {
		if it.Template.ID == "results-framework" && (it.Applicable || it.EffectiveStatus != domain.StatusNotRequired) {
			t.Fatalf("results-framework should be excluded for standard modality: %+v", it)
		}
	}

	_, err = env.Engine.UpdateConfig(env.Ctx, "act-1", domain.ConfigUpdate{FinancingType: str("barter")}, "tester")
	if !domain.IsKind(err, domain.KindValidation) {
		t.Fatalf("expected validation error, got %v", err)
	}
	st, _ = env.Engine.State(env.Ctx, "act-1")
	if st.Config.FinancingType == nil || *st.Config.FinancingType != "loan" {
		t.Fatalf("rejected update changed config: %+v", st.Config)
	}

	if _, err := env.Engine.UpdateConfig(env.Ctx, "act-1", domain.ConfigUpdate{FinancingType: str("  ")}, "tester"); err != nil {
		t.Fatalf("blank value should clear axis: %v", err)
	}
	st, _ = env.Engine.State(env.Ctx, "act-1")
	if st.Config.FinancingType != nil {
		t.Fatalf("expected financing type cleared")
	}
}

func TestItemResponseUpdates(t *testing.T) {
	env := newTestEnv(t)
	resp, err := env.Engine.UpdateItemResponse(env.Ctx, "act-1", "concept-note", domain.ResponseUpdate{Status: domain.StatusInProgress, Note: str("drafting")}, "tester")
	if err != nil {
		t.Fatalf("update: %v", err)
	}
	if resp.Note != "drafting" {
		t.Fatalf("note = %q", resp.Note)
	}
	resp, err = env.Engine.UpdateItemResponse(env.Ctx, "act-1", "concept-note", domain.ResponseUpdate{Status: domain.StatusCompleted}, "tester")
	if err != nil {
		t.Fatal(err)
	}
	if resp.Note != "drafting" {
		t.Fatalf("nil note should keep existing note, got %q", resp.Note)
	}
	if _, err := env.Engine.UpdateItemResponse(env.Ctx, "act-1", "missing", domain.ResponseUpdate{Status: domain.StatusCompleted}, "tester"); !domain.IsKind(err, domain.KindNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
	if _, err := env.Engine.UpdateItemResponse(env.Ctx, "act-1", "concept-note", domain.ResponseUpdate{Status: "done"}, "tester"); !domain.IsKind(err, domain.KindValidation) {
		t.Fatalf("expected validation error, got %v", err)
	}
	evts, err := env.Engine.ListEvents(env.Ctx, 10, 0, repo.EventFilter{ActivityID: "act-1", Type: events.TypeResponseUpdated})
	if err != nil {
		t.Fatal(err)
	}
	if len(evts) != 2 || !strings.Contains(evts[0].Payload, `"to":"completed"`) {
		t.Fatalf("unexpected events %+v", evts)
	}
}

func TestSignOffGateAndSnapshot(t *testing.T) {
	env := newTestEnv(t)
	att := domain.Attestation{SignatureTitle: " Director of Planning "}
	if _, err := env.Engine.SignOff(env.Ctx, "act-1", "identification", att, "officer"); !domain.IsKind(err, domain.KindPrecondition) {
		t.Fatalf("expected precondition error, got %v", err)
	}
	complete(t, env, "act-1", "concept-note", "alignment")
	if _, err := env.Engine.UpdateItemResponse(env.Ctx, "act-1", "stakeholder-consultation", domain.ResponseUpdate{Status: domain.StatusNotRequired}, "tester"); err != nil {
		t.Fatal(err)
	}
	if _, err := env.Engine.SignOff(env.Ctx, "act-1", "identification", domain.Attestation{SignatureTitle: "\t"}, "officer"); !domain.IsKind(err, domain.KindValidation) {
		t.Fatalf("expected validation error, got %v", err)
	}
	so, err := env.Engine.SignOff(env.Ctx, "act-1", "identification", att, "officer")
	if err != nil {
		t.Fatalf("sign off: %v", err)
	}
	if so.SignedOffBy != "officer" || so.SignatureTitle != "Director of Planning" {
		t.Fatalf("unexpected attestation %+v", so)
	}
	if so.ItemsCompleted != 2 || so.ItemsNotRequired != 1 || so.ItemsTotal != 3 {
		t.Fatalf("unexpected snapshot %+v", so)
	}
	if _, err := env.Engine.SignOff(env.Ctx, "act-1", "identification", att, "officer"); !domain.IsKind(err, domain.KindConflict) {
		t.Fatalf("expected conflict, got %v", err)
	}
	if _, err := env.Engine.UpdateItemResponse(env.Ctx, "act-1", "alignment", domain.ResponseUpdate{Status: domain.StatusInProgress}, "tester"); !domain.IsKind(err, domain.KindPrecondition) {
		t.Fatalf("expected signed stage to be read-only, got %v", err)
	}

	// A config change that adds applicable items never rewrites the snapshot.
	if _, err := env.Engine.UpdateConfig(env.Ctx, "act-1", domain.ConfigUpdate{IsInfrastructure: true}, "tester"); err != nil {
		t.Fatal(err)
	}
	st, err := env.Engine.State(env.Ctx, "act-1")
	if err != nil {
		t.Fatal(err)
	}
	ident, _ := st.Stage("identification")
	if ident.State != domain.StageSigned || *ident.Signoff != so {
		t.Fatalf("snapshot changed: %+v", ident.Signoff)
	}
	if st.OverallProgress.StagesSignedOff != 1 {
		t.Fatalf("expected one signed stage, got %d", st.OverallProgress.StagesSignedOff)
	}
	if _, err := env.Engine.SignOff(env.Ctx, "act-1", "nope", att, "officer"); !domain.IsKind(err, domain.KindNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
}

func TestDocumentLifecycle(t *testing.T) {
	env := newTestEnv(t)
	doc, err := env.Engine.UploadDocument(env.Ctx, "act-1", "concept-note", domain.Upload{
		FileName: "concept.pdf",
		FileType: "application/pdf",
		Body:     strings.NewReader("%PDF-1.4"),
	}, "tester")
	if err != nil {
		t.Fatalf("upload: %v", err)
	}
	if doc.FileSize != 8 || !strings.HasPrefix(doc.FileURL, "file://") {
		t.Fatalf("unexpected document %+v", doc)
	}
	st, err := env.Engine.State(env.Ctx, "act-1")
	if err != nil {
		t.Fatal(err)
	}
	ident, _ := st.Stage("identification")
	item := ident.Items[0]
	if item.Response == nil || len(item.Response.Documents) != 1 || item.Response.Documents[0].FileURL == "" {
		t.Fatalf("expected document on concept-note response: %+v", item.Response)
	}
	if item.EffectiveStatus != domain.StatusNotCompleted {
		t.Fatalf("upload should not change status, got %s", item.EffectiveStatus)
	}
	if _, err := env.Engine.UploadDocument(env.Ctx, "act-1", "concept-note", domain.Upload{Body: strings.NewReader("x")}, "tester"); !domain.IsKind(err, domain.KindValidation) {
		t.Fatalf("expected validation error, got %v", err)
	}
	if err := env.Engine.DeleteDocument(env.Ctx, "act-1", doc.ID, "tester"); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if err := env.Engine.DeleteDocument(env.Ctx, "act-1", doc.ID, "tester"); !domain.IsKind(err, domain.KindNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
}

func TestDocumentsInSignedStageRejected(t *testing.T) {
	env := newTestEnv(t)
	doc, err := env.Engine.UploadDocument(env.Ctx, "act-1", "feasibility-study", domain.Upload{FileName: "study.pdf", Body: strings.NewReader("abc")}, "tester")
	if err != nil {
		t.Fatal(err)
	}
	complete(t, env, "act-1", "feasibility-study")
	if _, err := env.Engine.SignOff(env.Ctx, "act-1", "appraisal", domain.Attestation{SignatureTitle: "Chief Economist"}, "officer"); err != nil {
		t.Fatalf("sign off: %v", err)
	}
	if _, err := env.Engine.UploadDocument(env.Ctx, "act-1", "feasibility-study", domain.Upload{FileName: "late.pdf", Body: strings.NewReader("zz")}, "tester"); !domain.IsKind(err, domain.KindPrecondition) {
		t.Fatalf("expected precondition error, got %v", err)
	}
	if err := env.Engine.DeleteDocument(env.Ctx, "act-1", doc.ID, "tester"); !domain.IsKind(err, domain.KindPrecondition) {
		t.Fatalf("expected precondition error, got %v", err)
	}
}

func TestEndorsement(t *testing.T) {
	env := newTestEnv(t)
	en, err := env.Engine.Endorsement(env.Ctx, "act-1")
	if err != nil || en.ActivityID != "act-1" || en.OfficerName != "" {
		t.Fatalf("expected empty endorsement, got %+v %v", en, err)
	}
	orgs, err := env.Engine.GovernmentOrganizations(env.Ctx)
	if err != nil {
		t.Fatal(err)
	}
	if len(orgs) != 2 {
		t.Fatalf("expected two government organizations, got %+v", orgs)
	}
	if _, err := env.Engine.SaveEndorsement(env.Ctx, "act-1", domain.EndorsementFields{GovernmentOrgID: "dpa"}, "tester"); !domain.IsKind(err, domain.KindValidation) {
		t.Fatalf("expected non-government org to be rejected, got %v", err)
	}
	if _, err := env.Engine.SaveEndorsement(env.Ctx, "act-1", domain.EndorsementFields{GovernmentOrgID: "ghost"}, "tester"); !domain.IsKind(err, domain.KindValidation) {
		t.Fatalf("expected unknown org to be rejected, got %v", err)
	}
	saved, err := env.Engine.SaveEndorsement(env.Ctx, "act-1", domain.EndorsementFields{GovernmentOrgID: "mof", OfficerName: "A. Mensah"}, "tester")
	if err != nil {
		t.Fatalf("save: %v", err)
	}
	got, err := env.Engine.Endorsement(env.Ctx, "act-1")
	if err != nil || got != saved {
		t.Fatalf("read back %+v, want %+v (%v)", got, saved, err)
	}
}

func TestSessionOverLocalBackend(t *testing.T) {
	env := newTestEnv(t)
	s := session.New(engine.Local{Engine: env.Engine, ActorID: "officer"}, "act-9")
	ctx := env.Ctx
	if _, err := s.UpdateConfig(ctx, domain.ConfigUpdate{FinancingType: str("grant")}); err != nil {
		t.Fatalf("update config: %v", err)
	}
	for _, id := range []string{"financing-agreement"} {
		if _, err := s.UpdateItemResponse(ctx, id, domain.ResponseUpdate{Status: domain.StatusCompleted}); err != nil {
			t.Fatalf("update %s: %v", id, err)
		}
	}
	if !s.CanSignOff("approval", true) {
		t.Fatalf("approval stage should be ready for a grant")
	}
	so, err := s.SignOff(ctx, "approval", domain.Attestation{SignatureTitle: "Permanent Secretary"})
	if err != nil {
		t.Fatalf("sign off: %v", err)
	}
	if so.SignedOffBy != "officer" || so.ItemsTotal != 1 {
		t.Fatalf("unexpected sign-off %+v", so)
	}
	approval, _ := s.State().Stage("approval")
	if approval.State != domain.StageSigned {
		t.Fatalf("session state not refreshed after sign-off")
	}
}

package app

import (
	"context"
	"os"
	"testing"

	"readiness/internal/config"
	"readiness/internal/repo"
)

func TestOpenSeedsCatalogOnce(t *testing.T) {
	dir := t.TempDir()
	ctx := context.Background()
	ws, err := Open(ctx, Options{Workspace: dir, ActorID: "tester"})
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	cat, err := ws.Engine.Catalog(ctx)
	if err != nil || len(cat.Stages) != 3 {
		t.Fatalf("expected seeded catalog, got %v %+v", err, cat.Stages)
	}
	ws.Close()

	ws, err = Open(ctx, Options{Workspace: dir, ActorID: "tester"})
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer ws.Close()
	evs, err := ws.Engine.ListEvents(ctx, 10, 0, repo.EventFilter{Type: "catalog.imported"})
	if err != nil {
		t.Fatal(err)
	}
	if len(evs) != 1 {
		t.Fatalf("expected a single import, got %d", len(evs))
	}
}

func TestOpenPrefersWorkspaceConfig(t *testing.T) {
	dir := t.TempDir()
	yml := `catalog:
  financing_types: [grant]
  stages:
    - id: only
      title: Only stage
      items: [{id: one, title: One}]
`
	if err := os.WriteFile(config.Path(dir), []byte(yml), 0o644); err != nil {
		t.Fatal(err)
	}
	ctx := context.Background()
	ws, err := Open(ctx, Options{Workspace: dir, ActorID: "tester"})
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer ws.Close()
	st, err := ws.Engine.State(ctx, "act-1")
	if err != nil {
		t.Fatal(err)
	}
	if len(st.Stages) != 1 || st.OverallProgress.Total != 1 {
		t.Fatalf("unexpected state %+v", st)
	}
}

func TestOpenRejectsInvalidConfig(t *testing.T) {
	dir := t.TempDir()
	if err := os.WriteFile(config.Path(dir), []byte("catalog: [oops"), 0o644); err != nil {
		t.Fatal(err)
	}
	if _, err := Open(context.Background(), Options{Workspace: dir}); err == nil {
		t.Fatalf("expected invalid config to fail")
	}
}

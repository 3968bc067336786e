package app_test

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"shipline/internal/app"
	"shipline/internal/config"
)

func TestOpenWithoutConfigNeedsProject(t *testing.T) {
	dir := t.TempDir()
	if _, err := app.Open(context.Background(), app.Options{Workspace: dir}); err == nil {
		t.Fatalf("expected missing project error")
	}
}

func TestOpenUsesConfigProject(t *testing.T) {
	dir := t.TempDir()
	if err := os.WriteFile(filepath.Join(dir, config.FileName), []byte(config.GenerateDefault("shop")), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	ctx := context.Background()
	a, err := app.Open(ctx, app.Options{Workspace: dir})
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer a.Close()
	if a.ProjectID != "shop" {
		t.Fatalf("expected project shop, got %s", a.ProjectID)
	}
	if _, err := a.Engine.InitializeProject(ctx, "shop", "tester"); err != nil {
		t.Fatalf("init: %v", err)
	}
}

func TestResolvePrefersOverrideThenSingleProject(t *testing.T) {
	dir := t.TempDir()
	ctx := context.Background()
	a, err := app.Open(ctx, app.Options{Workspace: dir, Project: "alpha"})
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer a.Close()
	if _, err := a.Engine.InitializeProject(ctx, "alpha", "tester"); err != nil {
		t.Fatalf("init: %v", err)
	}
	id, cfg, err := app.ResolveProjectAndConfig(ctx, dir, "", a.Engine.Repo)
	if err != nil || id != "alpha" || cfg.Project.ID != "alpha" {
		t.Fatalf("expected the single project alpha, got %q %v", id, err)
	}
	id, _, err = app.ResolveProjectAndConfig(ctx, dir, "beta", a.Engine.Repo)
	if err != nil || id != "beta" {
		t.Fatalf("expected override beta, got %q %v", id, err)
	}
}

package scaffold

import (
	"errors"
	"path/filepath"
	"testing"

	"github.com/splax/skiff/internal/inspect"
)

func TestCreateProducesDetectableProject(t *testing.T) {
	for _, kind := range []inspect.FrameworkKind{
		inspect.FrameworkBun,
		inspect.FrameworkReact,
		inspect.FrameworkMERN,
	} {
		t.Run(string(kind), func(t *testing.T) {
			dir := filepath.Join(t.TempDir(), "app")
			if err := Create(dir, kind, "my-app"); err != nil {
				t.Fatalf("create: %v", err)
			}
			profile, err := inspect.Inspect(dir, "")
			if err != nil {
				t.Fatalf("inspect scaffolded project: %v", err)
			}
			if profile.Framework != kind {
				t.Fatalf("scaffolded %s detects as %s", kind, profile.Framework)
			}
			if profile.AppName() != "my-app" {
				t.Fatalf("app name %q, want my-app", profile.AppName())
			}
		})
	}
}

func TestCreateRefusesExistingProject(t *testing.T) {
	dir := t.TempDir()
	if err := Create(dir, inspect.FrameworkReact, "first"); err != nil {
		t.Fatalf("create: %v", err)
	}
	err := Create(dir, inspect.FrameworkBun, "second")
	if !errors.Is(err, ErrNotEmpty) {
		t.Fatalf("expected ErrNotEmpty, got %v", err)
	}
}

func TestCreateRejectsUnknownKind(t *testing.T) {
	err := Create(t.TempDir(), inspect.FrameworkAstro, "app")
	if !errors.Is(err, inspect.ErrUnsupportedFramework) {
		t.Fatalf("expected ErrUnsupportedFramework, got %v", err)
	}
}

package build

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/docker/go-connections/nat"

	"github.com/splax/skiff/internal/docker"
	"github.com/splax/skiff/internal/inspect"
)

// Stage names reported inside BuildError.
const (
	StageRecipe      = "recipe"
	StageFingerprint = "fingerprint"
	StageImageBuild  = "image_build"
)

// BuildError wraps a failure from the build pipeline with the stage it
// occurred at. Builds are never retried automatically: backend failures are
// usually deterministic and re-running only repeats them.
type BuildError struct {
	Stage string
	Err   error
}

func (e *BuildError) Error() string {
	return fmt.Sprintf("build stage %s: %v", e.Stage, e.Err)
}

func (e *BuildError) Unwrap() error { return e.Err }

// ImageRef identifies a built, tagged image.
type ImageRef struct {
	Repository string
	Tag        string
	Digest     string
}

func (r ImageRef) String() string {
	return r.Repository + ":" + r.Tag
}

// Result reports the image produced by Build. Reused is true when the
// content-addressed tag already existed and no rebuild happened; cache-hit
// semantics are surfaced explicitly rather than hidden in the backend.
type Result struct {
	Ref                 ImageRef
	Reused              bool
	DockerfileGenerated bool
}

// Backend is the external image build service the builder drives.
type Backend interface {
	ImageExists(ctx context.Context, reference string) (bool, error)
	ImageDigest(ctx context.Context, reference string) (string, error)
	BuildImage(ctx context.Context, dir, tag string, buildArgs map[string]*string, onOutput docker.BuildOutputCallback) error
}

// Builder produces tagged, content-addressed images for inspected projects.
type Builder struct {
	backend  Backend
	registry string
	logger   *slog.Logger
}

// New creates a Builder over the given backend.
func New(backend Backend, registry string, logger *slog.Logger) *Builder {
	registry = strings.TrimSuffix(strings.TrimSpace(registry), "/")
	if registry == "" {
		registry = "skiff"
	}
	return &Builder{backend: backend, registry: registry, logger: logger}
}

// Build synthesizes the recipe for (framework, mode), fingerprints the source
// tree, and builds the image unless an image with the derived tag already
// exists.
func (b *Builder) Build(ctx context.Context, profile inspect.Profile, mode Mode, port int) (Result, error) {
	if b.backend == nil {
		return Result{}, &BuildError{Stage: StageImageBuild, Err: fmt.Errorf("build backend not initialised")}
	}
	if _, err := nat.NewPort("tcp", strconv.Itoa(port)); err != nil {
		return Result{}, &BuildError{Stage: StageRecipe, Err: fmt.Errorf("invalid container port %d: %w", port, err)}
	}

	recipe, err := NewRecipe(profile, mode, port)
	if err != nil {
		return Result{}, &BuildError{Stage: StageRecipe, Err: err}
	}
	generated, err := ensureRecipe(profile.Root, recipe)
	if err != nil {
		return Result{}, &BuildError{Stage: StageRecipe, Err: err}
	}

	fingerprint, err := Fingerprint(profile.Root)
	if err != nil {
		return Result{}, &BuildError{Stage: StageFingerprint, Err: err}
	}
	ref := ImageRef{
		Repository: fmt.Sprintf("%s/%s", b.registry, profile.AppName()),
		Tag:        fmt.Sprintf("%s-%s", fingerprint[:12], mode),
	}

	exists, err := b.backend.ImageExists(ctx, ref.String())
	if err != nil {
		return Result{}, &BuildError{Stage: StageImageBuild, Err: err}
	}
	if exists {
		if digest, err := b.backend.ImageDigest(ctx, ref.String()); err == nil {
			ref.Digest = digest
		}
		b.logger.Info("image up to date, skipping build", "image", ref.String())
		return Result{Ref: ref, Reused: true, DockerfileGenerated: generated}, nil
	}

	b.logger.Info("building container image", "image", ref.String(), "mode", string(mode), "framework", string(profile.Framework))
	onOutput := func(line string) {
		b.logger.Debug("image build output", "image", ref.String(), "line", line)
	}
	if err := b.backend.BuildImage(ctx, profile.Root, ref.String(), nil, onOutput); err != nil {
		return Result{}, &BuildError{Stage: StageImageBuild, Err: err}
	}
	if digest, err := b.backend.ImageDigest(ctx, ref.String()); err == nil {
		ref.Digest = digest
	}
	return Result{Ref: ref, Reused: false, DockerfileGenerated: generated}, nil
}

// ensureRecipe writes the rendered Dockerfile and .dockerignore into the
// project tree. A hand-written Dockerfile always wins; one we generated
// earlier is replaced when the rendered content changed (mode switch, port
// change). Returns whether the Dockerfile in use is generated.
func ensureRecipe(root string, recipe Recipe) (bool, error) {
	dockerfilePath := filepath.Join(root, "Dockerfile")
	existing, err := os.ReadFile(dockerfilePath)
	switch {
	case err == nil:
		if !strings.Contains(string(existing), GeneratedMarker) {
			return false, nil
		}
		if string(existing) == recipe.Dockerfile {
			return true, nil
		}
	case !os.IsNotExist(err):
		return false, fmt.Errorf("read dockerfile: %w", err)
	}
	if err := os.WriteFile(dockerfilePath, []byte(recipe.Dockerfile), 0o644); err != nil {
		return false, fmt.Errorf("write dockerfile: %w", err)
	}
	ignorePath := filepath.Join(root, ".dockerignore")
	if _, err := os.Stat(ignorePath); os.IsNotExist(err) {
		if err := os.WriteFile(ignorePath, []byte(recipe.Dockerignore), 0o644); err != nil {
			return true, fmt.Errorf("write dockerignore: %w", err)
		}
	}
	return true, nil
}

package deploy

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/splax/skiff/internal/build"
	"github.com/splax/skiff/internal/cluster"
	"github.com/splax/skiff/internal/inspect"
	"github.com/splax/skiff/internal/manifest"
)

type fakeBuilder struct {
	mu     sync.Mutex
	builds int
	err    error
	delay  time.Duration
}

func (f *fakeBuilder) Build(ctx context.Context, profile inspect.Profile, mode build.Mode, port int) (build.Result, error) {
	if f.delay > 0 {
		select {
		case <-time.After(f.delay):
		case <-ctx.Done():
			return build.Result{}, ctx.Err()
		}
	}
	f.mu.Lock()
	f.builds++
	f.mu.Unlock()
	if f.err != nil {
		return build.Result{}, f.err
	}
	return build.Result{
		Ref: build.ImageRef{
			Repository: "registry.local/" + profile.AppName(),
			Tag:        fmt.Sprintf("abc123-%s", mode),
		},
		DockerfileGenerated: true,
	}, nil
}

type fakeCluster struct {
	mu          sync.Mutex
	applied     []manifest.Set
	rollbacks   []string
	deletes     []string
	applyErr    error
	watchErr    error
	rollbackErr error
	deleteErr   error
	blockWatch  bool
}

func (f *fakeCluster) Apply(_ context.Context, set manifest.Set) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.applyErr != nil {
		return f.applyErr
	}
	f.applied = append(f.applied, set)
	return nil
}

func (f *fakeCluster) WatchRollout(ctx context.Context, _, _ string, _ time.Duration) (cluster.RolloutStatus, error) {
	if f.blockWatch {
		<-ctx.Done()
		return cluster.RolloutStatus{Phase: cluster.RolloutProgressing}, ctx.Err()
	}
	if f.watchErr != nil {
		return cluster.RolloutStatus{Phase: cluster.RolloutFailed}, f.watchErr
	}
	return cluster.RolloutStatus{Phase: cluster.RolloutHealthy, ReadyReplicas: 1, DesiredReplicas: 1}, nil
}

func (f *fakeCluster) Rollback(ctx context.Context, _, _, deployID string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.rollbackErr != nil {
		return f.rollbackErr
	}
	f.rollbacks = append(f.rollbacks, deployID)
	return nil
}

func (f *fakeCluster) Delete(ctx context.Context, _, deployID string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.deleteErr != nil {
		return f.deleteErr
	}
	f.deletes = append(f.deletes, deployID)
	return nil
}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func writeFile(t *testing.T, dir, name, content string) {
	t.Helper()
	path := filepath.Join(dir, name)
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		t.Fatalf("mkdir: %v", err)
	}
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("write %s: %v", name, err)
	}
}

func reactProject(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	writeFile(t, dir, "package.json", `{"name":"web","dependencies":{"react":"18.2.0"}}`)
	writeFile(t, dir, filepath.Join("src", "index.js"), "console.log('hi')\n")
	return dir
}

func newManager(builder imageBuilder, clusterAPI clusterAPI) *Manager {
	return New(builder, clusterAPI, NewLockRegistry(), nil, time.Second, discardLogger())
}

func TestDeployHappyPath(t *testing.T) {
	root := reactProject(t)
	clusterAPI := &fakeCluster{}
	manager := newManager(&fakeBuilder{}, clusterAPI)

	spec := manifest.DefaultSpec(build.ModeProd)
	outcome, err := manager.Deploy(context.Background(), root, spec, "")
	if err != nil {
		t.Fatalf("deploy: %v", err)
	}
	if outcome.Status.Phase != cluster.RolloutHealthy {
		t.Fatalf("phase %q, want healthy", outcome.Status.Phase)
	}
	if len(clusterAPI.applied) != 1 {
		t.Fatalf("expected 1 apply, got %d", len(clusterAPI.applied))
	}

	record, err := LoadRecord(root)
	if err != nil {
		t.Fatalf("load record: %v", err)
	}
	if record.DeployID != outcome.DeployID {
		t.Fatalf("record deploy id %q, outcome %q", record.DeployID, outcome.DeployID)
	}
	if record.Image != outcome.Image.Ref.String() {
		t.Fatalf("record image %q, outcome %q", record.Image, outcome.Image.Ref.String())
	}
	if _, err := os.Stat(filepath.Join(ManifestsDir(root), "deployment.yaml")); err != nil {
		t.Fatalf("manifest mirror missing: %v", err)
	}
}

func TestDeployRejectsInvalidSpec(t *testing.T) {
	root := reactProject(t)
	builder := &fakeBuilder{}
	manager := newManager(builder, &fakeCluster{})

	spec := manifest.DefaultSpec(build.ModeProd)
	spec.Namespace = "Not_A_Namespace!"
	_, err := manager.Deploy(context.Background(), root, spec, "")
	if !errors.Is(err, manifest.ErrInvalidSpec) {
		t.Fatalf("expected ErrInvalidSpec, got %v", err)
	}
	if builder.builds != 0 {
		t.Fatalf("invalid spec must fail before any build")
	}
}

func TestDeployUsesDeclaredPort(t *testing.T) {
	root := reactProject(t)
	writeFile(t, root, ".env", "PORT=5173\n")
	clusterAPI := &fakeCluster{}
	manager := newManager(&fakeBuilder{}, clusterAPI)

	// A zero port means no --port flag was given: the port the project
	// declares wins.
	spec := manifest.DefaultSpec(build.ModeProd)
	spec.Port = 0
	if _, err := manager.Deploy(context.Background(), root, spec, ""); err != nil {
		t.Fatalf("deploy: %v", err)
	}
	container := clusterAPI.applied[0].Workload.Spec.Template.Spec.Containers[0]
	if got := container.Ports[0].ContainerPort; got != 5173 {
		t.Fatalf("container port %d, want declared 5173", got)
	}

	// An explicit port overrides the declaration.
	spec.Port = 4000
	if _, err := manager.Deploy(context.Background(), root, spec, ""); err != nil {
		t.Fatalf("deploy with explicit port: %v", err)
	}
	container = clusterAPI.applied[1].Workload.Spec.Template.Spec.Containers[0]
	if got := container.Ports[0].ContainerPort; got != 4000 {
		t.Fatalf("container port %d, want override 4000", got)
	}
}

func TestDeployConcurrentSameProject(t *testing.T) {
	root := reactProject(t)
	manager := newManager(&fakeBuilder{delay: 100 * time.Millisecond}, &fakeCluster{})
	spec := manifest.DefaultSpec(build.ModeProd)

	errs := make(chan error, 2)
	for range 2 {
		go func() {
			_, err := manager.Deploy(context.Background(), root, spec, "")
			errs <- err
		}()
	}
	var busy, ok int
	for range 2 {
		switch err := <-errs; {
		case err == nil:
			ok++
		case errors.Is(err, ErrDeployBusy):
			busy++
		default:
			t.Fatalf("unexpected error: %v", err)
		}
	}
	if ok != 1 || busy != 1 {
		t.Fatalf("expected one winner and one busy, got ok=%d busy=%d", ok, busy)
	}
}

func TestDeployRollsBackFailedRollout(t *testing.T) {
	root := reactProject(t)
	clusterAPI := &fakeCluster{watchErr: fmt.Errorf("%w: progress deadline exceeded", cluster.ErrRolloutFailed)}
	manager := newManager(&fakeBuilder{}, clusterAPI)

	spec := manifest.DefaultSpec(build.ModeProd)
	_, err := manager.Deploy(context.Background(), root, spec, "")
	if !errors.Is(err, cluster.ErrRolloutFailed) {
		t.Fatalf("expected ErrRolloutFailed, got %v", err)
	}
	if len(clusterAPI.rollbacks) != 1 {
		t.Fatalf("expected rollback, got %d", len(clusterAPI.rollbacks))
	}
	if len(clusterAPI.deletes) != 0 {
		t.Fatalf("rollback succeeded, resources must not be deleted")
	}
}

func TestDeployCleansUpFirstFailedRollout(t *testing.T) {
	root := reactProject(t)
	clusterAPI := &fakeCluster{
		watchErr:    fmt.Errorf("%w: timed out", cluster.ErrRolloutTimeout),
		rollbackErr: cluster.ErrNoPriorRevision,
	}
	manager := newManager(&fakeBuilder{}, clusterAPI)

	spec := manifest.DefaultSpec(build.ModeProd)
	spec.CleanupOnFailure = true
	_, err := manager.Deploy(context.Background(), root, spec, "")
	if !errors.Is(err, cluster.ErrRolloutTimeout) {
		t.Fatalf("expected ErrRolloutTimeout, got %v", err)
	}
	// One pre-deploy delete plus one failure cleanup.
	if len(clusterAPI.deletes) != 2 {
		t.Fatalf("expected pre-deploy and cleanup deletes, got %d", len(clusterAPI.deletes))
	}
}

func TestDeployCleanupFlagRemovesPreviousDeployment(t *testing.T) {
	root := reactProject(t)
	clusterAPI := &fakeCluster{}
	manager := newManager(&fakeBuilder{}, clusterAPI)

	spec := manifest.DefaultSpec(build.ModeProd)
	spec.CleanupOnFailure = true
	outcome, err := manager.Deploy(context.Background(), root, spec, "")
	if err != nil {
		t.Fatalf("deploy: %v", err)
	}
	if len(clusterAPI.deletes) != 1 || clusterAPI.deletes[0] != outcome.DeployID {
		t.Fatalf("expected pre-deploy delete of %s, got %v", outcome.DeployID, clusterAPI.deletes)
	}
	if len(clusterAPI.applied) != 1 {
		t.Fatalf("expected apply after pre-delete, got %d", len(clusterAPI.applied))
	}
}

func TestDeployRecoversAfterInterrupt(t *testing.T) {
	root := reactProject(t)
	clusterAPI := &fakeCluster{
		blockWatch:  true,
		rollbackErr: cluster.ErrNoPriorRevision,
	}
	manager := newManager(&fakeBuilder{}, clusterAPI)

	spec := manifest.DefaultSpec(build.ModeProd)
	spec.CleanupOnFailure = true
	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(20 * time.Millisecond)
		cancel()
	}()
	_, err := manager.Deploy(ctx, root, spec, "")
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
	// Cleanup still runs after the invocation context is cancelled: one
	// pre-deploy delete plus one failure cleanup.
	if len(clusterAPI.deletes) != 2 {
		t.Fatalf("expected cleanup to survive cancellation, got %d deletes", len(clusterAPI.deletes))
	}
}

func TestDeployLeavesResourcesWithoutCleanupFlag(t *testing.T) {
	root := reactProject(t)
	clusterAPI := &fakeCluster{
		watchErr:    fmt.Errorf("%w: timed out", cluster.ErrRolloutTimeout),
		rollbackErr: cluster.ErrNoPriorRevision,
	}
	manager := newManager(&fakeBuilder{}, clusterAPI)

	spec := manifest.DefaultSpec(build.ModeProd)
	_, err := manager.Deploy(context.Background(), root, spec, "")
	if !errors.Is(err, cluster.ErrRolloutTimeout) {
		t.Fatalf("expected ErrRolloutTimeout, got %v", err)
	}
	if len(clusterAPI.deletes) != 0 {
		t.Fatalf("resources deleted without cleanup flag")
	}
}

func TestCleanupUsesSavedRecord(t *testing.T) {
	root := reactProject(t)
	clusterAPI := &fakeCluster{}
	manager := newManager(&fakeBuilder{}, clusterAPI)

	spec := manifest.DefaultSpec(build.ModeProd)
	outcome, err := manager.Deploy(context.Background(), root, spec, "")
	if err != nil {
		t.Fatalf("deploy: %v", err)
	}

	if err := manager.Cleanup(context.Background(), root, "", ""); err != nil {
		t.Fatalf("cleanup: %v", err)
	}
	if len(clusterAPI.deletes) != 1 || clusterAPI.deletes[0] != outcome.DeployID {
		t.Fatalf("cleanup deleted %v, want [%s]", clusterAPI.deletes, outcome.DeployID)
	}
	if _, err := LoadRecord(root); !errors.Is(err, ErrNoRecord) {
		t.Fatalf("record must be removed after cleanup, got %v", err)
	}
}

func TestCleanupWithoutRecordFallsBackToDetection(t *testing.T) {
	root := reactProject(t)
	clusterAPI := &fakeCluster{}
	manager := newManager(&fakeBuilder{}, clusterAPI)

	if err := manager.Cleanup(context.Background(), root, "default", ""); err != nil {
		t.Fatalf("cleanup: %v", err)
	}
	profile, err := inspect.Inspect(root, "")
	if err != nil {
		t.Fatalf("inspect: %v", err)
	}
	want := manifest.DeployID(profile.Root, profile.Framework, "default")
	if len(clusterAPI.deletes) != 1 || clusterAPI.deletes[0] != want {
		t.Fatalf("cleanup deleted %v, want [%s]", clusterAPI.deletes, want)
	}
}

func TestCleanupWithoutRecordRequiresNamespace(t *testing.T) {
	root := reactProject(t)
	clusterAPI := &fakeCluster{}
	manager := newManager(&fakeBuilder{}, clusterAPI)

	err := manager.Cleanup(context.Background(), root, "", "")
	if !errors.Is(err, ErrNoRecord) {
		t.Fatalf("expected ErrNoRecord, got %v", err)
	}
	if len(clusterAPI.deletes) != 0 {
		t.Fatalf("cleanup must not guess a namespace, deleted %v", clusterAPI.deletes)
	}
}

func TestLockRegistry(t *testing.T) {
	locks := NewLockRegistry()
	if !locks.TryAcquire("a") {
		t.Fatalf("fresh lock must be acquirable")
	}
	if locks.TryAcquire("a") {
		t.Fatalf("held lock must not be acquirable")
	}
	if !locks.TryAcquire("b") {
		t.Fatalf("distinct ids must not contend")
	}
	locks.Release("a")
	if !locks.TryAcquire("a") {
		t.Fatalf("released lock must be acquirable")
	}
}

func TestExitCodes(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want int
	}{
		{"nil", nil, ExitOK},
		{"busy", fmt.Errorf("wrapped: %w", ErrDeployBusy), ExitBusy},
		{"detection", inspect.ErrUnsupportedFramework, ExitBadInput},
		{"validation", manifest.ErrInvalidSpec, ExitBadInput},
		{"bounds", manifest.ErrInvalidScalingBounds, ExitBadInput},
		{"no record", fmt.Errorf("%w: pass --namespace", ErrNoRecord), ExitBadInput},
		{"build", &build.BuildError{Stage: build.StageImageBuild, Err: errors.New("boom")}, ExitBuild},
		{"apply", fmt.Errorf("%w: denied", cluster.ErrApplyFailed), ExitCluster},
		{"rollout", cluster.ErrRolloutFailed, ExitCluster},
		{"timeout", cluster.ErrRolloutTimeout, ExitCluster},
		{"unknown", errors.New("mystery"), ExitInternal},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			if got := ExitCode(tc.err); got != tc.want {
				t.Fatalf("ExitCode(%v) = %d, want %d", tc.err, got, tc.want)
			}
		})
	}
}

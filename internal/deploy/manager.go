package deploy

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/splax/skiff/internal/build"
	"github.com/splax/skiff/internal/cluster"
	"github.com/splax/skiff/internal/inspect"
	"github.com/splax/skiff/internal/manifest"
	"github.com/splax/skiff/internal/telemetry"
)

// Phase names the lifecycle states a deploy moves through. Transitions are
// strictly forward; a failure at any phase moves to cleanup and stops.
type Phase string

const (
	PhaseIdle         Phase = "idle"
	PhaseLocking      Phase = "locking"
	PhaseBuilding     Phase = "building"
	PhaseSynthesizing Phase = "synthesizing"
	PhaseApplying     Phase = "applying"
	PhaseWatching     Phase = "watching"
	PhaseDone         Phase = "done"
)

// imageBuilder is what the manager needs from the build pipeline.
type imageBuilder interface {
	Build(ctx context.Context, profile inspect.Profile, mode build.Mode, port int) (build.Result, error)
}

// clusterAPI is what the manager needs from the cluster controller.
type clusterAPI interface {
	Apply(ctx context.Context, set manifest.Set) error
	WatchRollout(ctx context.Context, namespace, name string, timeout time.Duration) (cluster.RolloutStatus, error)
	Rollback(ctx context.Context, namespace, name, deployID string) error
	Delete(ctx context.Context, namespace, deployID string) error
}

// Outcome reports a finished deploy.
type Outcome struct {
	DeployID string
	Profile  inspect.Profile
	Image    build.Result
	Status   cluster.RolloutStatus
}

// Manager drives the deploy lifecycle end to end: inspect, lock, build,
// synthesize, apply, watch. One manager serves many projects; per-deploy
// serialization happens through the injected lock registry.
type Manager struct {
	builder        imageBuilder
	cluster        clusterAPI
	locks          *LockRegistry
	recorder       *telemetry.Recorder
	logger         *slog.Logger
	rolloutTimeout time.Duration
}

// New wires a manager. recorder may be nil when telemetry is disabled.
func New(builder imageBuilder, clusterAPI clusterAPI, locks *LockRegistry, recorder *telemetry.Recorder, rolloutTimeout time.Duration, logger *slog.Logger) *Manager {
	if locks == nil {
		locks = NewLockRegistry()
	}
	if rolloutTimeout <= 0 {
		rolloutTimeout = 2 * time.Minute
	}
	return &Manager{
		builder:        builder,
		cluster:        clusterAPI,
		locks:          locks,
		recorder:       recorder,
		logger:         logger,
		rolloutTimeout: rolloutTimeout,
	}
}

// Deploy runs the full lifecycle for the project at root. Detection and
// validation happen before any external effect; the per-deploy lock is held
// from before the image build until the rollout settles. A zero spec.Port
// means no explicit port was given and the project's declared port is used.
func (m *Manager) Deploy(ctx context.Context, root string, spec manifest.DeploySpec, override inspect.FrameworkKind) (Outcome, error) {
	profile, err := inspect.Inspect(root, override)
	if err != nil {
		return Outcome{}, err
	}
	if spec.Port == 0 {
		spec.Port = profile.DeclaredPort
	}
	if err := spec.Validate(); err != nil {
		return Outcome{}, err
	}
	deployID := manifest.DeployID(profile.Root, profile.Framework, spec.Namespace)
	logger := m.logger.With("deployId", deployID, "app", profile.AppName(), "namespace", spec.Namespace)
	m.transition(logger, PhaseIdle, PhaseLocking)

	if !m.locks.TryAcquire(deployID) {
		return Outcome{}, fmt.Errorf("%w: deploy %s", ErrDeployBusy, deployID)
	}
	defer m.locks.Release(deployID)

	// With cleanup requested, a previous deployment's resources are removed
	// up front so the redeploy starts from a clean slate. Best effort: apply
	// converges on leftovers anyway.
	if spec.CleanupOnFailure {
		if err := m.cluster.Delete(ctx, spec.Namespace, deployID); err != nil {
			logger.Warn("previous resources not removed before redeploy", "error", err)
		}
	}

	m.transition(logger, PhaseLocking, PhaseBuilding)
	buildStart := time.Now()
	image, err := m.builder.Build(ctx, profile, spec.Mode, spec.Port)
	m.recordStage("build", err, buildStart)
	if err != nil {
		return Outcome{}, err
	}
	if m.recorder != nil {
		m.recorder.RecordImageResult(image.Reused)
	}

	m.transition(logger, PhaseBuilding, PhaseSynthesizing)
	set, err := manifest.Synthesize(profile, image.Ref, spec)
	if err != nil {
		return Outcome{}, err
	}
	if err := manifest.WriteSet(ManifestsDir(root), set); err != nil {
		logger.Warn("manifest mirror not written", "error", err)
	}

	m.transition(logger, PhaseSynthesizing, PhaseApplying)
	applyStart := time.Now()
	err = m.cluster.Apply(ctx, set)
	m.recordStage("apply", err, applyStart)
	if err != nil {
		err = fmt.Errorf("%w: %w", cluster.ErrApplyFailed, err)
		m.recoverFailure(ctx, logger, set, spec, err)
		return Outcome{}, err
	}

	m.transition(logger, PhaseApplying, PhaseWatching)
	watchStart := time.Now()
	status, err := m.cluster.WatchRollout(ctx, spec.Namespace, set.Name(), m.rolloutTimeout)
	m.recordStage("rollout", err, watchStart)
	if err != nil {
		m.recoverFailure(ctx, logger, set, spec, err)
		return Outcome{DeployID: deployID, Profile: profile, Image: image, Status: status}, err
	}

	record := Record{
		DeployID:   deployID,
		App:        profile.AppName(),
		Namespace:  spec.Namespace,
		Framework:  string(profile.Framework),
		Image:      image.Ref.String(),
		Mode:       string(spec.Mode),
		DeployedAt: time.Now().UTC(),
	}
	if err := SaveRecord(root, record); err != nil {
		logger.Warn("deployment record not saved", "error", err)
	}
	m.transition(logger, PhaseWatching, PhaseDone)
	logger.Info("deploy complete", "image", image.Ref.String(), "reused", image.Reused,
		"ready", status.ReadyReplicas, "desired", status.DesiredReplicas)
	return Outcome{DeployID: deployID, Profile: profile, Image: image, Status: status}, nil
}

// recoverTimeout bounds post-failure rollback and cleanup. Recovery runs on a
// context detached from the invocation so an interrupt that cancelled the
// deploy does not also cancel the repair.
const recoverTimeout = 30 * time.Second

// recoverFailure runs after apply or rollout failed. A recorded prior revision
// is restored first; without one, resources are torn down when the caller
// asked for cleanup on failure. Recovery is best effort and never masks the
// original error.
func (m *Manager) recoverFailure(ctx context.Context, logger *slog.Logger, set manifest.Set, spec manifest.DeploySpec, cause error) {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), recoverTimeout)
	defer cancel()
	if err := m.cluster.Rollback(ctx, spec.Namespace, set.Name(), set.DeployID); err == nil {
		logger.Warn("deploy failed, previous revision restored", "cause", cause)
		return
	} else if !errors.Is(err, cluster.ErrNoPriorRevision) {
		logger.Error("rollback after failed deploy did not complete", "error", err, "cause", cause)
		return
	}
	if !spec.CleanupOnFailure {
		logger.Warn("deploy failed, resources left in place", "cause", cause)
		return
	}
	if err := m.cluster.Delete(ctx, spec.Namespace, set.DeployID); err != nil {
		logger.Error("cleanup after failed deploy did not complete", "error", err, "cause", cause)
		return
	}
	logger.Warn("deploy failed, resources cleaned up", "cause", cause)
}

// Cleanup removes the cluster resources of a project's deployment. The saved
// record resolves the deploy id; when no record exists, detection re-derives
// it from the project tree.
func (m *Manager) Cleanup(ctx context.Context, root, namespace string, override inspect.FrameworkKind) error {
	deployID := ""
	record, err := LoadRecord(root)
	switch {
	case err == nil:
		deployID = record.DeployID
		if namespace == "" {
			namespace = record.Namespace
		}
	case errors.Is(err, ErrNoRecord):
		// Without a record the namespace cannot be inferred: dev and prod
		// deploys default to different namespaces, and guessing one would
		// silently delete nothing.
		if namespace == "" {
			return fmt.Errorf("%w: pass --namespace to target a deployment without a record", ErrNoRecord)
		}
		profile, inspectErr := inspect.Inspect(root, override)
		if inspectErr != nil {
			return fmt.Errorf("resolve deploy id without record: %w", inspectErr)
		}
		deployID = manifest.DeployID(profile.Root, profile.Framework, namespace)
	default:
		return err
	}

	if !m.locks.TryAcquire(deployID) {
		return fmt.Errorf("%w: deploy %s", ErrDeployBusy, deployID)
	}
	defer m.locks.Release(deployID)

	if err := m.cluster.Delete(ctx, namespace, deployID); err != nil {
		return err
	}
	if err := RemoveRecord(root); err != nil {
		m.logger.Warn("deployment record not removed", "error", err)
	}
	m.logger.Info("cleanup complete", "deployId", deployID, "namespace", namespace)
	return nil
}

func (m *Manager) transition(logger *slog.Logger, from, to Phase) {
	logger.Debug("phase transition", "from", string(from), "to", string(to))
}

func (m *Manager) recordStage(stage string, err error, start time.Time) {
	if m.recorder == nil {
		return
	}
	outcome := "ok"
	if err != nil {
		outcome = "error"
	}
	m.recorder.RecordStage(stage, outcome, time.Since(start))
}

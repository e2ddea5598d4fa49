package cluster

import (
	"context"
	"errors"
	"fmt"
	"time"

	appsv1 "k8s.io/api/apps/v1"
	corev1 "k8s.io/api/core/v1"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
)

// RolloutPhase is the coarse state of a workload rollout.
type RolloutPhase string

const (
	RolloutProgressing RolloutPhase = "Progressing"
	RolloutHealthy     RolloutPhase = "Healthy"
	RolloutFailed      RolloutPhase = "Failed"
	RolloutTimedOut    RolloutPhase = "TimedOut"
)

var (
	// ErrRolloutFailed reports a rollout the control plane marked as failed.
	ErrRolloutFailed = errors.New("cluster: rollout failed")
	// ErrRolloutTimeout reports a rollout that did not converge within the
	// watch window.
	ErrRolloutTimeout = errors.New("cluster: rollout timed out")
)

// RolloutStatus is one observation of a workload rollout.
type RolloutStatus struct {
	Phase               RolloutPhase
	ReadyReplicas       int32
	DesiredReplicas     int32
	UnavailableReplicas int32
	Message             string
}

// WatchRollout polls the workload until it converges, fails, or the timeout
// elapses. The loop is a plain poll-sleep-check cycle so cancellation via ctx
// takes effect between observations; there is no hidden retry or backoff.
func (c *Controller) WatchRollout(ctx context.Context, namespace, name string, timeout time.Duration) (RolloutStatus, error) {
	if timeout <= 0 {
		timeout = 2 * time.Minute
	}
	deadline := time.NewTimer(timeout)
	defer deadline.Stop()
	ticker := time.NewTicker(c.pollInterval)
	defer ticker.Stop()

	var last RolloutStatus
	for {
		deployment, err := c.client.AppsV1().Deployments(namespace).Get(ctx, name, metav1.GetOptions{})
		if err != nil {
			return last, fmt.Errorf("observe deployment %s: %w", name, err)
		}
		last = observeRollout(deployment)
		switch last.Phase {
		case RolloutHealthy:
			c.logger.Info("rollout healthy", "name", name, "namespace", namespace,
				"ready", last.ReadyReplicas, "desired", last.DesiredReplicas)
			return last, nil
		case RolloutFailed:
			return last, fmt.Errorf("%w: %s", ErrRolloutFailed, last.Message)
		}
		c.logger.Debug("rollout progressing", "name", name, "namespace", namespace,
			"ready", last.ReadyReplicas, "desired", last.DesiredReplicas)

		select {
		case <-ctx.Done():
			return last, ctx.Err()
		case <-deadline.C:
			last.Phase = RolloutTimedOut
			return last, fmt.Errorf("%w: %d/%d replicas ready after %s",
				ErrRolloutTimeout, last.ReadyReplicas, last.DesiredReplicas, timeout)
		case <-ticker.C:
		}
	}
}

// observeRollout classifies a single deployment observation. The control
// plane's ProgressDeadlineExceeded condition is the failure signal; health
// requires the current generation to be observed and every desired replica
// updated, available, and not superseded.
func observeRollout(deployment *appsv1.Deployment) RolloutStatus {
	desired := int32(1)
	if deployment.Spec.Replicas != nil {
		desired = *deployment.Spec.Replicas
	}
	status := RolloutStatus{
		Phase:               RolloutProgressing,
		ReadyReplicas:       deployment.Status.ReadyReplicas,
		DesiredReplicas:     desired,
		UnavailableReplicas: deployment.Status.UnavailableReplicas,
	}
	for _, cond := range deployment.Status.Conditions {
		if cond.Type == appsv1.DeploymentProgressing &&
			cond.Status == corev1.ConditionFalse &&
			cond.Reason == "ProgressDeadlineExceeded" {
			status.Phase = RolloutFailed
			status.Message = cond.Message
			return status
		}
	}
	if deployment.Status.ObservedGeneration >= deployment.Generation &&
		deployment.Status.UpdatedReplicas == desired &&
		deployment.Status.AvailableReplicas >= desired &&
		deployment.Status.Replicas == desired {
		status.Phase = RolloutHealthy
	}
	return status
}

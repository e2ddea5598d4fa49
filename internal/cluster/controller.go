package cluster

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"sync"
	"time"

	corev1 "k8s.io/api/core/v1"
	apierrors "k8s.io/apimachinery/pkg/api/errors"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/client-go/kubernetes"
	"k8s.io/client-go/rest"
	"k8s.io/client-go/tools/clientcmd"

	"github.com/splax/skiff/internal/manifest"
)

var (
	// ErrNoPriorRevision reports a rollback request for a deployment that has
	// no recorded earlier image in this process.
	ErrNoPriorRevision = errors.New("cluster: no prior revision recorded")
	// ErrApplyFailed classifies any failure while converging resources.
	ErrApplyFailed = errors.New("cluster: apply failed")
)

// Controller applies synthesized manifests to a cluster and tracks the one
// prior image revision per deploy id that rollback needs.
type Controller struct {
	client       kubernetes.Interface
	logger       *slog.Logger
	pollInterval time.Duration

	mu        sync.Mutex
	revisions map[string]string
}

// New wraps an existing clientset. Used directly by tests and by callers that
// manage their own client configuration.
func New(client kubernetes.Interface, pollInterval time.Duration, logger *slog.Logger) *Controller {
	if pollInterval <= 0 {
		pollInterval = 2 * time.Second
	}
	return &Controller{
		client:       client,
		logger:       logger,
		pollInterval: pollInterval,
		revisions:    make(map[string]string),
	}
}

// NewFromKubeconfig builds a controller from ambient cluster configuration.
// It prefers in-cluster credentials and falls back to KUBECONFIG, then the
// default kubeconfig path, when running on a workstation.
func NewFromKubeconfig(pollInterval time.Duration, logger *slog.Logger) (*Controller, error) {
	cfg, err := rest.InClusterConfig()
	if err != nil {
		kubeconfig := strings.TrimSpace(os.Getenv("KUBECONFIG"))
		if kubeconfig == "" {
			kubeconfig = clientcmd.RecommendedHomeFile
		}
		cfg, err = clientcmd.BuildConfigFromFlags("", kubeconfig)
		if err != nil {
			return nil, fmt.Errorf("create kubeconfig client: %w", err)
		}
	}
	clientset, err := kubernetes.NewForConfig(cfg)
	if err != nil {
		return nil, fmt.Errorf("create kubernetes client: %w", err)
	}
	return New(clientset, pollInterval, logger), nil
}

// EnsureNamespace creates the namespace if it does not exist yet. Existing
// namespaces are left untouched.
func (c *Controller) EnsureNamespace(ctx context.Context, namespace string) error {
	_, err := c.client.CoreV1().Namespaces().Get(ctx, namespace, metav1.GetOptions{})
	if err == nil {
		return nil
	}
	if !apierrors.IsNotFound(err) {
		return fmt.Errorf("get namespace %s: %w", namespace, err)
	}
	ns := &corev1.Namespace{
		ObjectMeta: metav1.ObjectMeta{
			Name:   namespace,
			Labels: map[string]string{manifest.ManagedByLabel: manifest.ManagedByValue},
		},
	}
	if _, err := c.client.CoreV1().Namespaces().Create(ctx, ns, metav1.CreateOptions{}); err != nil && !apierrors.IsAlreadyExists(err) {
		return fmt.Errorf("create namespace %s: %w", namespace, err)
	}
	c.logger.Info("namespace created", "namespace", namespace)
	return nil
}

// Apply converges the cluster on the manifest set: each resource is created
// when absent and updated in place when present. The image the workload ran
// before the update is recorded so Rollback can restore it; only the latest
// prior image is kept per deploy id.
func (c *Controller) Apply(ctx context.Context, set manifest.Set) error {
	namespace := set.Workload.Namespace
	if err := c.EnsureNamespace(ctx, namespace); err != nil {
		return err
	}
	if err := c.applyWorkload(ctx, set); err != nil {
		return err
	}
	if err := c.applyService(ctx, set); err != nil {
		return err
	}
	return c.applyAutoscaler(ctx, set)
}

func (c *Controller) applyWorkload(ctx context.Context, set manifest.Set) error {
	deployments := c.client.AppsV1().Deployments(set.Workload.Namespace)
	existing, err := deployments.Get(ctx, set.Workload.Name, metav1.GetOptions{})
	if apierrors.IsNotFound(err) {
		if _, err := deployments.Create(ctx, set.Workload, metav1.CreateOptions{}); err != nil {
			return fmt.Errorf("create deployment %s: %w", set.Workload.Name, err)
		}
		c.logger.Info("deployment created", "name", set.Workload.Name, "namespace", set.Workload.Namespace)
		return nil
	}
	if err != nil {
		return fmt.Errorf("get deployment %s: %w", set.Workload.Name, err)
	}

	if containers := existing.Spec.Template.Spec.Containers; len(containers) > 0 {
		prior := containers[0].Image
		next := set.Workload.Spec.Template.Spec.Containers[0].Image
		if prior != "" && prior != next {
			c.recordRevision(set.DeployID, prior)
		}
	}

	updated := set.Workload.DeepCopy()
	updated.ResourceVersion = existing.ResourceVersion
	if _, err := deployments.Update(ctx, updated, metav1.UpdateOptions{}); err != nil {
		return fmt.Errorf("update deployment %s: %w", set.Workload.Name, err)
	}
	c.logger.Info("deployment updated", "name", set.Workload.Name, "namespace", set.Workload.Namespace)
	return nil
}

func (c *Controller) applyService(ctx context.Context, set manifest.Set) error {
	services := c.client.CoreV1().Services(set.Service.Namespace)
	existing, err := services.Get(ctx, set.Service.Name, metav1.GetOptions{})
	if apierrors.IsNotFound(err) {
		if _, err := services.Create(ctx, set.Service, metav1.CreateOptions{}); err != nil {
			return fmt.Errorf("create service %s: %w", set.Service.Name, err)
		}
		return nil
	}
	if err != nil {
		return fmt.Errorf("get service %s: %w", set.Service.Name, err)
	}
	updated := set.Service.DeepCopy()
	updated.ResourceVersion = existing.ResourceVersion
	// ClusterIP is immutable once allocated.
	updated.Spec.ClusterIP = existing.Spec.ClusterIP
	if _, err := services.Update(ctx, updated, metav1.UpdateOptions{}); err != nil {
		return fmt.Errorf("update service %s: %w", set.Service.Name, err)
	}
	return nil
}

// applyAutoscaler creates or updates the HPA, and deletes a leftover one when
// the current spec no longer requests autoscaling.
func (c *Controller) applyAutoscaler(ctx context.Context, set manifest.Set) error {
	autoscalers := c.client.AutoscalingV2().HorizontalPodAutoscalers(set.Workload.Namespace)
	if set.Autoscaler == nil {
		err := autoscalers.Delete(ctx, set.Name(), metav1.DeleteOptions{})
		if err != nil && !apierrors.IsNotFound(err) {
			return fmt.Errorf("delete autoscaler %s: %w", set.Name(), err)
		}
		return nil
	}
	existing, err := autoscalers.Get(ctx, set.Autoscaler.Name, metav1.GetOptions{})
	if apierrors.IsNotFound(err) {
		if _, err := autoscalers.Create(ctx, set.Autoscaler, metav1.CreateOptions{}); err != nil {
			return fmt.Errorf("create autoscaler %s: %w", set.Autoscaler.Name, err)
		}
		return nil
	}
	if err != nil {
		return fmt.Errorf("get autoscaler %s: %w", set.Autoscaler.Name, err)
	}
	updated := set.Autoscaler.DeepCopy()
	updated.ResourceVersion = existing.ResourceVersion
	if _, err := autoscalers.Update(ctx, updated, metav1.UpdateOptions{}); err != nil {
		return fmt.Errorf("update autoscaler %s: %w", set.Autoscaler.Name, err)
	}
	return nil
}

// Rollback restores the workload to the image recorded before the most recent
// Apply. The revision is consumed: a second rollback without an intervening
// deploy reports ErrNoPriorRevision.
func (c *Controller) Rollback(ctx context.Context, namespace, name, deployID string) error {
	prior, ok := c.takeRevision(deployID)
	if !ok {
		return fmt.Errorf("%w: deploy %s", ErrNoPriorRevision, deployID)
	}
	deployments := c.client.AppsV1().Deployments(namespace)
	existing, err := deployments.Get(ctx, name, metav1.GetOptions{})
	if err != nil {
		return fmt.Errorf("get deployment %s for rollback: %w", name, err)
	}
	updated := existing.DeepCopy()
	if len(updated.Spec.Template.Spec.Containers) == 0 {
		return fmt.Errorf("deployment %s has no containers to roll back", name)
	}
	updated.Spec.Template.Spec.Containers[0].Image = prior
	if _, err := deployments.Update(ctx, updated, metav1.UpdateOptions{}); err != nil {
		return fmt.Errorf("roll back deployment %s: %w", name, err)
	}
	c.logger.Info("deployment rolled back", "name", name, "namespace", namespace, "image", prior)
	return nil
}

// Delete removes every resource labeled with the deploy id. Deletion is best
// effort: a missing resource is not an error, and one failure does not stop
// the remaining deletes.
func (c *Controller) Delete(ctx context.Context, namespace, deployID string) error {
	selector := metav1.ListOptions{
		LabelSelector: fmt.Sprintf("%s=%s", manifest.DeployIDLabel, deployID),
	}
	var errs []error

	hpas := c.client.AutoscalingV2().HorizontalPodAutoscalers(namespace)
	if list, err := hpas.List(ctx, selector); err != nil {
		errs = append(errs, fmt.Errorf("list autoscalers: %w", err))
	} else {
		for _, item := range list.Items {
			if err := hpas.Delete(ctx, item.Name, metav1.DeleteOptions{}); err != nil && !apierrors.IsNotFound(err) {
				errs = append(errs, fmt.Errorf("delete autoscaler %s: %w", item.Name, err))
			}
		}
	}

	services := c.client.CoreV1().Services(namespace)
	if list, err := services.List(ctx, selector); err != nil {
		errs = append(errs, fmt.Errorf("list services: %w", err))
	} else {
		for _, item := range list.Items {
			if err := services.Delete(ctx, item.Name, metav1.DeleteOptions{}); err != nil && !apierrors.IsNotFound(err) {
				errs = append(errs, fmt.Errorf("delete service %s: %w", item.Name, err))
			}
		}
	}

	deployments := c.client.AppsV1().Deployments(namespace)
	if list, err := deployments.List(ctx, selector); err != nil {
		errs = append(errs, fmt.Errorf("list deployments: %w", err))
	} else {
		for _, item := range list.Items {
			if err := deployments.Delete(ctx, item.Name, metav1.DeleteOptions{}); err != nil && !apierrors.IsNotFound(err) {
				errs = append(errs, fmt.Errorf("delete deployment %s: %w", item.Name, err))
			}
		}
	}

	c.dropRevision(deployID)
	if len(errs) > 0 {
		return errors.Join(errs...)
	}
	c.logger.Info("deployment resources removed", "deployId", deployID, "namespace", namespace)
	return nil
}

func (c *Controller) recordRevision(deployID, image string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.revisions[deployID] = image
}

func (c *Controller) takeRevision(deployID string) (string, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	image, ok := c.revisions[deployID]
	if ok {
		delete(c.revisions, deployID)
	}
	return image, ok
}

func (c *Controller) dropRevision(deployID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.revisions, deployID)
}

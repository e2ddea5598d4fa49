package manifest

import (
	"fmt"
	"strconv"

	appsv1 "k8s.io/api/apps/v1"
	autoscalingv2 "k8s.io/api/autoscaling/v2"
	corev1 "k8s.io/api/core/v1"
	"k8s.io/apimachinery/pkg/api/resource"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/apimachinery/pkg/util/intstr"
	"k8s.io/utils/ptr"

	"github.com/splax/skiff/internal/build"
	"github.com/splax/skiff/internal/inspect"
)

// Labels applied to every synthesized resource. DeployIDLabel is the selector
// the controller uses to find everything belonging to one deployment.
const (
	ManagedByLabel = "app.kubernetes.io/managed-by"
	ManagedByValue = "skiff"
	AppNameLabel   = "app.kubernetes.io/name"
	DeployIDLabel  = "skiff.dev/deploy-id"
)

// Set is the complete group of resources synthesized for one deployment.
// Autoscaler is nil when the spec did not request autoscaling.
type Set struct {
	DeployID   string
	App        string
	Workload   *appsv1.Deployment
	Service    *corev1.Service
	Autoscaler *autoscalingv2.HorizontalPodAutoscaler
}

// Name returns the shared resource name for the set, derived from the app name
// and deploy id so repeated deploys of the same project converge on the same
// objects.
func (s Set) Name() string {
	return s.App + "-" + s.DeployID
}

// Synthesize produces typed manifests from the inspection profile, built image
// and deploy spec. It is pure: no cluster or filesystem access, identical
// inputs yield identical objects.
func Synthesize(profile inspect.Profile, ref build.ImageRef, spec DeploySpec) (Set, error) {
	if err := spec.Validate(); err != nil {
		return Set{}, err
	}
	app := profile.AppName()
	deployID := DeployID(profile.Root, profile.Framework, spec.Namespace)
	name := app + "-" + deployID
	labels := map[string]string{
		AppNameLabel:   app,
		ManagedByLabel: ManagedByValue,
		DeployIDLabel:  deployID,
	}

	set := Set{
		DeployID: deployID,
		App:      app,
		Workload: synthesizeWorkload(name, profile, ref, spec, labels),
		Service:  synthesizeService(name, spec, labels),
	}
	if spec.Autoscale {
		hpa, err := computeAutoscaler(name, spec.Namespace, cloneLabels(labels), spec)
		if err != nil {
			return Set{}, err
		}
		set.Autoscaler = hpa
	}
	if err := set.checkConsistency(); err != nil {
		return Set{}, err
	}
	return set, nil
}

func synthesizeWorkload(name string, profile inspect.Profile, ref build.ImageRef, spec DeploySpec, labels map[string]string) *appsv1.Deployment {
	requests, limits := resourceTier(spec.Mode)
	return &appsv1.Deployment{
		TypeMeta: metav1.TypeMeta{APIVersion: "apps/v1", Kind: "Deployment"},
		ObjectMeta: metav1.ObjectMeta{
			Name:      name,
			Namespace: spec.Namespace,
			Labels:    cloneLabels(labels),
		},
		Spec: appsv1.DeploymentSpec{
			Replicas: ptr.To(spec.ReplicaMin),
			Selector: &metav1.LabelSelector{MatchLabels: cloneLabels(labels)},
			Strategy: appsv1.DeploymentStrategy{
				Type: appsv1.RollingUpdateDeploymentStrategyType,
				RollingUpdate: &appsv1.RollingUpdateDeployment{
					MaxSurge:       ptr.To(intstr.FromString("25%")),
					MaxUnavailable: ptr.To(intstr.FromString("25%")),
				},
			},
			Template: corev1.PodTemplateSpec{
				ObjectMeta: metav1.ObjectMeta{
					Labels: cloneLabels(labels),
					Annotations: map[string]string{
						"prometheus.io/scrape": "true",
						"prometheus.io/port":   strconv.Itoa(spec.Port),
					},
				},
				Spec: corev1.PodSpec{
					Containers: []corev1.Container{{
						Name:  "app",
						Image: ref.String(),
						Ports: []corev1.ContainerPort{{
							ContainerPort: int32(spec.Port),
							Protocol:      corev1.ProtocolTCP,
						}},
						Env: []corev1.EnvVar{
							{Name: "PORT", Value: strconv.Itoa(spec.Port)},
							{Name: "NODE_ENV", Value: spec.Mode.NodeEnv()},
						},
						Resources: corev1.ResourceRequirements{
							Requests: requests,
							Limits:   limits,
						},
						ReadinessProbe: httpProbe(healthPath(profile.Framework, spec), spec.Port, 5, 10),
						LivenessProbe:  httpProbe(healthPath(profile.Framework, spec), spec.Port, 20, 20),
					}},
				},
			},
		},
	}
}

func synthesizeService(name string, spec DeploySpec, labels map[string]string) *corev1.Service {
	return &corev1.Service{
		TypeMeta: metav1.TypeMeta{APIVersion: "v1", Kind: "Service"},
		ObjectMeta: metav1.ObjectMeta{
			Name:      name,
			Namespace: spec.Namespace,
			Labels:    cloneLabels(labels),
		},
		Spec: corev1.ServiceSpec{
			Type:     corev1.ServiceTypeClusterIP,
			Selector: cloneLabels(labels),
			Ports: []corev1.ServicePort{{
				Name:       "http",
				Port:       int32(spec.Port),
				TargetPort: intstr.FromInt32(int32(spec.Port)),
				Protocol:   corev1.ProtocolTCP,
			}},
		},
	}
}

// healthPath picks the probe path. Split frontend/backend projects expose a
// dedicated backend health route; plain frontends answer on the root.
func healthPath(kind inspect.FrameworkKind, spec DeploySpec) string {
	if spec.HealthPath != "" {
		return spec.HealthPath
	}
	if kind == inspect.FrameworkMERN {
		return "/health"
	}
	return "/"
}

func httpProbe(path string, port int, initialDelay, period int32) *corev1.Probe {
	return &corev1.Probe{
		ProbeHandler: corev1.ProbeHandler{
			HTTPGet: &corev1.HTTPGetAction{
				Path: path,
				Port: intstr.FromInt32(int32(port)),
			},
		},
		InitialDelaySeconds: initialDelay,
		PeriodSeconds:       period,
	}
}

// resourceTier returns the request/limit pair for a build mode. Dev deploys
// get a small footprint so many of them fit on one node; prod deploys get
// serving-grade allocations.
func resourceTier(mode build.Mode) (requests, limits corev1.ResourceList) {
	if mode == build.ModeProd {
		return corev1.ResourceList{
				corev1.ResourceCPU:    resource.MustParse("500m"),
				corev1.ResourceMemory: resource.MustParse("512Mi"),
			}, corev1.ResourceList{
				corev1.ResourceCPU:    resource.MustParse("1"),
				corev1.ResourceMemory: resource.MustParse("1Gi"),
			}
	}
	return corev1.ResourceList{
			corev1.ResourceCPU:    resource.MustParse("100m"),
			corev1.ResourceMemory: resource.MustParse("128Mi"),
		}, corev1.ResourceList{
			corev1.ResourceCPU:    resource.MustParse("500m"),
			corev1.ResourceMemory: resource.MustParse("512Mi"),
		}
}

func cloneLabels(labels map[string]string) map[string]string {
	out := make(map[string]string, len(labels))
	for k, v := range labels {
		out[k] = v
	}
	return out
}

// checkConsistency verifies the invariants that tie the set together: the
// workload selector matches its pod template, the service selects those pods,
// and the autoscaler targets the workload. A violation is a synthesis bug, not
// caller input, but it must never reach the cluster.
func (s Set) checkConsistency() error {
	selector := s.Workload.Spec.Selector.MatchLabels
	podLabels := s.Workload.Spec.Template.Labels
	for k, v := range selector {
		if podLabels[k] != v {
			return fmt.Errorf("manifest: workload selector %s=%s not present on pod template", k, v)
		}
	}
	for k, v := range s.Service.Spec.Selector {
		if podLabels[k] != v {
			return fmt.Errorf("manifest: service selector %s=%s not present on pod template", k, v)
		}
	}
	if s.Autoscaler != nil && s.Autoscaler.Spec.ScaleTargetRef.Name != s.Workload.Name {
		return fmt.Errorf("manifest: autoscaler targets %q, workload is %q", s.Autoscaler.Spec.ScaleTargetRef.Name, s.Workload.Name)
	}
	return nil
}

package manifest

import (
	"fmt"

	autoscalingv2 "k8s.io/api/autoscaling/v2"
	corev1 "k8s.io/api/core/v1"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/utils/ptr"
)

// computeAutoscaler derives the HorizontalPodAutoscaler for a workload. Both a
// CPU and a memory utilization metric are attached; the control plane scales
// on whichever one is further over its target.
func computeAutoscaler(name, namespace string, labels map[string]string, spec DeploySpec) (*autoscalingv2.HorizontalPodAutoscaler, error) {
	if spec.ReplicaMin < 1 || spec.ReplicaMin > spec.ReplicaMax {
		return nil, fmt.Errorf("%w: min %d max %d", ErrInvalidScalingBounds, spec.ReplicaMin, spec.ReplicaMax)
	}
	if spec.ReplicaMax > MaxReplicaCeiling {
		return nil, fmt.Errorf("%w: max %d exceeds ceiling %d", ErrInvalidScalingBounds, spec.ReplicaMax, MaxReplicaCeiling)
	}
	return &autoscalingv2.HorizontalPodAutoscaler{
		TypeMeta: metav1.TypeMeta{APIVersion: "autoscaling/v2", Kind: "HorizontalPodAutoscaler"},
		ObjectMeta: metav1.ObjectMeta{
			Name:      name,
			Namespace: namespace,
			Labels:    labels,
		},
		Spec: autoscalingv2.HorizontalPodAutoscalerSpec{
			ScaleTargetRef: autoscalingv2.CrossVersionObjectReference{
				APIVersion: "apps/v1",
				Kind:       "Deployment",
				Name:       name,
			},
			MinReplicas: ptr.To(spec.ReplicaMin),
			MaxReplicas: spec.ReplicaMax,
			Metrics: []autoscalingv2.MetricSpec{
				utilizationMetric(corev1.ResourceCPU, spec.CPUThresholdPct),
				utilizationMetric(corev1.ResourceMemory, spec.MemThresholdPct),
			},
		},
	}, nil
}

func utilizationMetric(resource corev1.ResourceName, pct int32) autoscalingv2.MetricSpec {
	return autoscalingv2.MetricSpec{
		Type: autoscalingv2.ResourceMetricSourceType,
		Resource: &autoscalingv2.ResourceMetricSource{
			Name: resource,
			Target: autoscalingv2.MetricTarget{
				Type:               autoscalingv2.UtilizationMetricType,
				AverageUtilization: ptr.To(pct),
			},
		},
	}
}

package manifest

import (
	"errors"
	"os"
	"path/filepath"
	"reflect"
	"strings"
	"testing"

	"github.com/splax/skiff/internal/build"
	"github.com/splax/skiff/internal/inspect"
)

func testProfile(kind inspect.FrameworkKind) inspect.Profile {
	return inspect.Profile{
		Root:           "/srv/projects/web",
		Framework:      kind,
		PackageManager: inspect.PMNPM,
	}
}

func testRef() build.ImageRef {
	return build.ImageRef{Repository: "registry.local/web", Tag: "abcdef123456-prod"}
}

func TestSynthesizeDeterministic(t *testing.T) {
	spec := DefaultSpec(build.ModeProd)
	first, err := Synthesize(testProfile(inspect.FrameworkReact), testRef(), spec)
	if err != nil {
		t.Fatalf("synthesize: %v", err)
	}
	second, err := Synthesize(testProfile(inspect.FrameworkReact), testRef(), spec)
	if err != nil {
		t.Fatalf("synthesize: %v", err)
	}
	if !reflect.DeepEqual(first, second) {
		t.Fatalf("identical inputs produced different sets")
	}
	if first.DeployID != second.DeployID {
		t.Fatalf("deploy id not stable")
	}
}

func TestSynthesizeLabelConsistency(t *testing.T) {
	spec := DefaultSpec(build.ModeProd)
	spec.Autoscale = true
	set, err := Synthesize(testProfile(inspect.FrameworkVue), testRef(), spec)
	if err != nil {
		t.Fatalf("synthesize: %v", err)
	}
	podLabels := set.Workload.Spec.Template.Labels
	if !reflect.DeepEqual(set.Workload.Spec.Selector.MatchLabels, podLabels) {
		t.Fatalf("workload selector %v does not match pod labels %v", set.Workload.Spec.Selector.MatchLabels, podLabels)
	}
	if !reflect.DeepEqual(set.Service.Spec.Selector, podLabels) {
		t.Fatalf("service selector %v does not match pod labels %v", set.Service.Spec.Selector, podLabels)
	}
	if set.Autoscaler.Spec.ScaleTargetRef.Name != set.Workload.Name {
		t.Fatalf("autoscaler targets %q, workload is %q", set.Autoscaler.Spec.ScaleTargetRef.Name, set.Workload.Name)
	}
	if podLabels[DeployIDLabel] != set.DeployID {
		t.Fatalf("pod labels missing deploy id")
	}
	if podLabels[ManagedByLabel] != ManagedByValue {
		t.Fatalf("pod labels missing managed-by marker")
	}
}

func TestSynthesizeAutoscaleToggle(t *testing.T) {
	spec := DefaultSpec(build.ModeProd)
	set, err := Synthesize(testProfile(inspect.FrameworkReact), testRef(), spec)
	if err != nil {
		t.Fatalf("synthesize: %v", err)
	}
	if set.Autoscaler != nil {
		t.Fatalf("autoscaler synthesized without being requested")
	}

	spec.Autoscale = true
	spec.ReplicaMin = 2
	spec.ReplicaMax = 6
	set, err = Synthesize(testProfile(inspect.FrameworkReact), testRef(), spec)
	if err != nil {
		t.Fatalf("synthesize: %v", err)
	}
	hpa := set.Autoscaler
	if hpa == nil {
		t.Fatalf("autoscaler missing")
	}
	if *hpa.Spec.MinReplicas != 2 || hpa.Spec.MaxReplicas != 6 {
		t.Fatalf("autoscaler bounds %d..%d, want 2..6", *hpa.Spec.MinReplicas, hpa.Spec.MaxReplicas)
	}
	if len(hpa.Spec.Metrics) != 2 {
		t.Fatalf("expected cpu and memory metrics, got %d", len(hpa.Spec.Metrics))
	}
	if *hpa.Spec.Metrics[0].Resource.Target.AverageUtilization != 70 {
		t.Fatalf("cpu target %d, want 70", *hpa.Spec.Metrics[0].Resource.Target.AverageUtilization)
	}
}

func TestSynthesizeRejectsBadBounds(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*DeploySpec)
	}{
		{"min above max", func(s *DeploySpec) { s.ReplicaMin = 5; s.ReplicaMax = 2 }},
		{"max above ceiling", func(s *DeploySpec) { s.ReplicaMax = MaxReplicaCeiling + 1 }},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			spec := DefaultSpec(build.ModeProd)
			tc.mutate(&spec)
			_, err := Synthesize(testProfile(inspect.FrameworkReact), testRef(), spec)
			if !errors.Is(err, ErrInvalidScalingBounds) {
				t.Fatalf("expected ErrInvalidScalingBounds, got %v", err)
			}
		})
	}
}

func TestSpecValidation(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*DeploySpec)
	}{
		{"empty namespace", func(s *DeploySpec) { s.Namespace = "" }},
		{"bad namespace", func(s *DeploySpec) { s.Namespace = "Not_A_Namespace!" }},
		{"zero port", func(s *DeploySpec) { s.Port = 0 }},
		{"port overflow", func(s *DeploySpec) { s.Port = 70000 }},
		{"zero replicas", func(s *DeploySpec) { s.ReplicaMin = 0 }},
		{"threshold overflow", func(s *DeploySpec) { s.CPUThresholdPct = 150 }},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			spec := DefaultSpec(build.ModeDev)
			tc.mutate(&spec)
			if err := spec.Validate(); err == nil {
				t.Fatalf("expected validation failure")
			}
		})
	}
	if err := DefaultSpec(build.ModeDev).Validate(); err != nil {
		t.Fatalf("default dev spec must validate: %v", err)
	}
	if err := DefaultSpec(build.ModeProd).Validate(); err != nil {
		t.Fatalf("default prod spec must validate: %v", err)
	}
}

func TestHealthPathPerFramework(t *testing.T) {
	spec := DefaultSpec(build.ModeProd)
	set, err := Synthesize(testProfile(inspect.FrameworkMERN), testRef(), spec)
	if err != nil {
		t.Fatalf("synthesize: %v", err)
	}
	container := set.Workload.Spec.Template.Spec.Containers[0]
	if got := container.ReadinessProbe.HTTPGet.Path; got != "/health" {
		t.Fatalf("split-stack readiness path %q, want /health", got)
	}

	set, err = Synthesize(testProfile(inspect.FrameworkReact), testRef(), spec)
	if err != nil {
		t.Fatalf("synthesize: %v", err)
	}
	container = set.Workload.Spec.Template.Spec.Containers[0]
	if got := container.LivenessProbe.HTTPGet.Path; got != "/" {
		t.Fatalf("frontend liveness path %q, want /", got)
	}

	spec.HealthPath = "/status"
	set, err = Synthesize(testProfile(inspect.FrameworkMERN), testRef(), spec)
	if err != nil {
		t.Fatalf("synthesize: %v", err)
	}
	container = set.Workload.Spec.Template.Spec.Containers[0]
	if got := container.ReadinessProbe.HTTPGet.Path; got != "/status" {
		t.Fatalf("override path %q, want /status", got)
	}
}

func TestDeployIDPartitions(t *testing.T) {
	base := DeployID("/srv/web", inspect.FrameworkReact, "default")
	if len(base) != 12 {
		t.Fatalf("deploy id length %d, want 12", len(base))
	}
	if DeployID("/srv/web", inspect.FrameworkReact, "default") != base {
		t.Fatalf("deploy id not stable")
	}
	if DeployID("/srv/web", inspect.FrameworkReact, "production") == base {
		t.Fatalf("namespace must partition deploy ids")
	}
	if DeployID("/srv/other", inspect.FrameworkReact, "default") == base {
		t.Fatalf("project path must partition deploy ids")
	}
}

func TestWriteSet(t *testing.T) {
	spec := DefaultSpec(build.ModeProd)
	spec.Autoscale = true
	set, err := Synthesize(testProfile(inspect.FrameworkReact), testRef(), spec)
	if err != nil {
		t.Fatalf("synthesize: %v", err)
	}
	dir := filepath.Join(t.TempDir(), "manifests")
	if err := WriteSet(dir, set); err != nil {
		t.Fatalf("write set: %v", err)
	}
	for _, name := range []string{"deployment.yaml", "service.yaml", "hpa.yaml"} {
		data, err := os.ReadFile(filepath.Join(dir, name))
		if err != nil {
			t.Fatalf("read %s: %v", name, err)
		}
		if !strings.Contains(string(data), set.Name()) {
			t.Fatalf("%s does not reference resource name %s", name, set.Name())
		}
	}
}

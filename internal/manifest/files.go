package manifest

import (
	"fmt"
	"os"
	"path/filepath"

	"sigs.k8s.io/yaml"
)

// WriteSet serializes the set as YAML under dir, one file per resource. The
// files are a record of what was applied; the cluster is driven from the typed
// objects, never from these files.
func WriteSet(dir string, set Set) error {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create manifest dir: %w", err)
	}
	files := map[string]any{
		"deployment.yaml": set.Workload,
		"service.yaml":    set.Service,
	}
	if set.Autoscaler != nil {
		files["hpa.yaml"] = set.Autoscaler
	}
	for name, obj := range files {
		data, err := yaml.Marshal(obj)
		if err != nil {
			return fmt.Errorf("marshal %s: %w", name, err)
		}
		if err := os.WriteFile(filepath.Join(dir, name), data, 0o644); err != nil {
			return fmt.Errorf("write %s: %w", name, err)
		}
	}
	return nil
}

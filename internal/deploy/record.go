package deploy

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"
)

// ErrNoRecord reports a project that has no saved deployment record.
var ErrNoRecord = errors.New("deploy: no deployment record")

const (
	stateDirName   = ".skiff"
	recordFileName = "deployment.json"
	manifestsDir   = "manifests"
)

// Record is the on-disk note of the last successful deploy of a project. It
// lets a later cleanup resolve the deploy id without re-running detection.
type Record struct {
	DeployID   string    `json:"deployId"`
	App        string    `json:"app"`
	Namespace  string    `json:"namespace"`
	Framework  string    `json:"framework"`
	Image      string    `json:"image"`
	Mode       string    `json:"mode"`
	DeployedAt time.Time `json:"deployedAt"`
}

// StateDir returns the project-local state directory.
func StateDir(root string) string {
	return filepath.Join(root, stateDirName)
}

// ManifestsDir returns the directory the applied manifests are mirrored into.
func ManifestsDir(root string) string {
	return filepath.Join(root, stateDirName, manifestsDir)
}

// SaveRecord writes the record under the project's state directory.
func SaveRecord(root string, record Record) error {
	dir := StateDir(root)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create state dir: %w", err)
	}
	data, err := json.MarshalIndent(record, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal deployment record: %w", err)
	}
	if err := os.WriteFile(filepath.Join(dir, recordFileName), data, 0o644); err != nil {
		return fmt.Errorf("write deployment record: %w", err)
	}
	return nil
}

// LoadRecord reads the record saved by the last successful deploy.
func LoadRecord(root string) (Record, error) {
	data, err := os.ReadFile(filepath.Join(root, stateDirName, recordFileName))
	if os.IsNotExist(err) {
		return Record{}, ErrNoRecord
	}
	if err != nil {
		return Record{}, fmt.Errorf("read deployment record: %w", err)
	}
	var record Record
	if err := json.Unmarshal(data, &record); err != nil {
		return Record{}, fmt.Errorf("parse deployment record: %w", err)
	}
	if record.DeployID == "" {
		return Record{}, fmt.Errorf("%w: record missing deploy id", ErrNoRecord)
	}
	return record, nil
}

// RemoveRecord drops the saved record. Used after cleanup so a stale record
// does not point at deleted resources.
func RemoveRecord(root string) error {
	err := os.Remove(filepath.Join(root, stateDirName, recordFileName))
	if err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("remove deployment record: %w", err)
	}
	return nil
}

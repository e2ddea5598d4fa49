package manifest

import (
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"

	"github.com/go-playground/validator/v10"

	"github.com/splax/skiff/internal/build"
	"github.com/splax/skiff/internal/inspect"
)

// MaxReplicaCeiling is the hard upper bound on replica counts; no deploy spec
// may exceed it regardless of flags.
const MaxReplicaCeiling = 10

var (
	// ErrInvalidSpec reports a deploy spec that failed validation before any
	// external I/O happened.
	ErrInvalidSpec = errors.New("manifest: invalid deploy spec")
	// ErrInvalidScalingBounds reports replica or threshold bounds the
	// autoscale policy rejects.
	ErrInvalidScalingBounds = errors.New("manifest: invalid scaling bounds")
)

var validate = validator.New(validator.WithRequiredStructEnabled())

// DeploySpec carries the caller-facing deployment parameters, constructed from
// CLI flags with defaults. Owned by the invocation that created it.
type DeploySpec struct {
	Namespace        string `validate:"required,hostname_rfc1123"`
	Port             int    `validate:"min=1,max=65535"`
	ReplicaMin       int32  `validate:"min=1"`
	ReplicaMax       int32  `validate:"min=1"`
	CPUThresholdPct  int32  `validate:"min=1,max=100"`
	MemThresholdPct  int32  `validate:"min=1,max=100"`
	Mode             build.Mode
	Autoscale        bool
	CleanupOnFailure bool
	HealthPath       string
}

// DefaultSpec returns the spec defaults for a build mode. Production deploys
// land in their own namespace unless overridden.
func DefaultSpec(mode build.Mode) DeploySpec {
	namespace := "default"
	if mode == build.ModeProd {
		namespace = "production"
	}
	return DeploySpec{
		Namespace:       namespace,
		Port:            3000,
		ReplicaMin:      1,
		ReplicaMax:      MaxReplicaCeiling,
		CPUThresholdPct: 70,
		MemThresholdPct: 80,
		Mode:            mode,
	}
}

// Validate checks field and cross-field constraints. It performs no I/O so
// invalid input is rejected before any cluster or build backend call.
func (s DeploySpec) Validate() error {
	if err := validate.Struct(s); err != nil {
		var fieldErrs validator.ValidationErrors
		if errors.As(err, &fieldErrs) && len(fieldErrs) > 0 {
			first := fieldErrs[0]
			return fmt.Errorf("%w: field %s rejects value %v", ErrInvalidSpec, first.Field(), first.Value())
		}
		return fmt.Errorf("%w: %v", ErrInvalidSpec, err)
	}
	if s.ReplicaMin > s.ReplicaMax {
		return fmt.Errorf("%w: replicaMin %d exceeds replicaMax %d", ErrInvalidScalingBounds, s.ReplicaMin, s.ReplicaMax)
	}
	if s.ReplicaMax > MaxReplicaCeiling {
		return fmt.Errorf("%w: replicaMax %d exceeds ceiling %d", ErrInvalidScalingBounds, s.ReplicaMax, MaxReplicaCeiling)
	}
	return nil
}

// DeployID is the stable identity of one project+namespace deployment. It is
// the idempotence key: re-deploying the same project into the same namespace
// reuses the same resource names and converges in place.
func DeployID(rootPath string, kind inspect.FrameworkKind, namespace string) string {
	h := sha256.New()
	fmt.Fprintf(h, "%s\x00%s\x00%s", rootPath, kind, namespace)
	return hex.EncodeToString(h.Sum(nil))[:12]
}

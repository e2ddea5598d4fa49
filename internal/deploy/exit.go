package deploy

import (
	"errors"

	"github.com/splax/skiff/internal/build"
	"github.com/splax/skiff/internal/cluster"
	"github.com/splax/skiff/internal/inspect"
	"github.com/splax/skiff/internal/manifest"
)

// Process exit codes. Scripts key off these, so each failure class gets a
// stable code.
const (
	ExitOK       = 0
	ExitBadInput = 1
	ExitBuild    = 2
	ExitCluster  = 3
	ExitBusy     = 4
	ExitInternal = 10
)

// ExitCode classifies an error from the deploy lifecycle into a process exit
// code.
func ExitCode(err error) int {
	if err == nil {
		return ExitOK
	}
	var buildErr *build.BuildError
	switch {
	case errors.Is(err, ErrDeployBusy):
		return ExitBusy
	case errors.Is(err, inspect.ErrUnsupportedFramework),
		errors.Is(err, manifest.ErrInvalidSpec),
		errors.Is(err, manifest.ErrInvalidScalingBounds),
		errors.Is(err, ErrNoRecord):
		return ExitBadInput
	case errors.As(err, &buildErr):
		return ExitBuild
	case errors.Is(err, cluster.ErrApplyFailed),
		errors.Is(err, cluster.ErrRolloutFailed),
		errors.Is(err, cluster.ErrRolloutTimeout),
		errors.Is(err, cluster.ErrNoPriorRevision):
		return ExitCluster
	}
	return ExitInternal
}

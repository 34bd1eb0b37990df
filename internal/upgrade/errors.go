package upgrade

import (
	"errors"
	"fmt"
)

var (
	// ErrNetworkUnavailable reports that the probe ran and found no
	// connectivity. It is distinct from a failing probe.
	ErrNetworkUnavailable = errors.New("network is not available")
	// ErrRebuildSpawn reports that an external tool could not be run.
	ErrRebuildSpawn = errors.New("rebuild spawn error")
	// ErrRebuildFailed reports that nixos-rebuild ran and exited non-zero.
	ErrRebuildFailed = errors.New("rebuild failed")
)

// Stages a RebuildSpawnError can originate from.
const (
	StageRebuild    = "rebuild"
	StageInspection = "image-inspection"
	StageReboot     = "reboot"
)

// RebuildSpawnError covers every failure to drive external tooling: starting
// nixos-rebuild, inspecting system images, or scheduling the reboot.
type RebuildSpawnError struct {
	Stage string
	Err   error
}

func (e *RebuildSpawnError) Error() string {
	switch e.Stage {
	case StageInspection:
		return fmt.Sprintf("failed to inspect system images: %v", e.Err)
	case StageReboot:
		return fmt.Sprintf("failed to trigger reboot: %v", e.Err)
	default:
		return fmt.Sprintf("failed to execute nixos-rebuild: %v", e.Err)
	}
}

func (e *RebuildSpawnError) Unwrap() error { return e.Err }

func (e *RebuildSpawnError) Is(target error) bool { return target == ErrRebuildSpawn }

// RebuildFailedError preserves the exit status of a failed nixos-rebuild.
type RebuildFailedError struct {
	ExitCode int
}

func (e *RebuildFailedError) Error() string {
	return fmt.Sprintf("nixos-rebuild failed with exit code: %d", e.ExitCode)
}

func (e *RebuildFailedError) Is(target error) bool { return target == ErrRebuildFailed }

package setup

import (
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"golang.org/x/sys/unix"

	"github.com/cochaviz/nixos-upgrade/internal/command"
	"github.com/cochaviz/nixos-upgrade/internal/config"
	"github.com/cochaviz/nixos-upgrade/internal/logging"
	"github.com/cochaviz/nixos-upgrade/internal/reboot"
	"github.com/cochaviz/nixos-upgrade/internal/rebuild"
)

// ErrNotRoot is returned when the process lacks the privileges to activate a
// system generation.
var ErrNotRoot = errors.New("nixos-upgrade must run as root")

var (
	geteuid       = unix.Geteuid
	packageLogger = slog.Default()
)

// SetLogger routes preflight diagnostics to logger; nil restores the default.
func SetLogger(logger *slog.Logger) {
	packageLogger = logging.Ensure(logger)
}

// RequireRoot fails unless the effective uid is 0.
func RequireRoot() error {
	if geteuid() != 0 {
		return ErrNotRoot
	}
	return nil
}

// Checks selects the invocation-level choices that change which tools a run
// needs.
type Checks struct {
	DryRun bool
	// DateClock is set when the reboot window reads the time from date(1).
	DateClock bool
	// EvalSymlinks is set when boot images are resolved in-process rather
	// than with readlink(1).
	EvalSymlinks bool
}

// RequiredCommands lists the programs a run with cfg may invoke.
func RequiredCommands(cfg config.UpgradeConfig, checks Checks) []string {
	if checks.DryRun {
		return nil
	}
	names := []string{rebuild.Program}
	if cfg.AllowReboot {
		if !checks.EvalSymlinks {
			names = append(names, "readlink")
		}
		if checks.DateClock && cfg.RebootWindow != nil {
			names = append(names, "date")
		}
		if strings.ToLower(cfg.Reboot.Method) != reboot.MethodLogind {
			names = append(names, "shutdown")
		}
	}
	return names
}

// Verify runs the preflight checks for cfg.
func Verify(cfg config.UpgradeConfig, checks Checks) error {
	dryRun := checks.DryRun
	logger := logging.Ensure(packageLogger)

	if !dryRun {
		if err := RequireRoot(); err != nil {
			return err
		}
	}

	names := RequiredCommands(cfg, checks)
	if err := command.Require(names...); err != nil {
		return fmt.Errorf("preflight: %w", err)
	}
	logger.Debug("preflight checks passed", "commands", names, "dry_run", dryRun)
	return nil
}

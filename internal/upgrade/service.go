// Package upgrade sequences one unattended system upgrade: probe the network,
// run nixos-rebuild, and reboot when the new generation needs it.
//
// A run is strictly sequential and happens once per process. Nothing is
// retried; the next shutdown re-evaluates everything from scratch.
package upgrade

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/cochaviz/nixos-upgrade/internal/command"
	"github.com/cochaviz/nixos-upgrade/internal/config"
	"github.com/cochaviz/nixos-upgrade/internal/logging"
	"github.com/cochaviz/nixos-upgrade/internal/netprobe"
	"github.com/cochaviz/nixos-upgrade/internal/reboot"
	"github.com/cochaviz/nixos-upgrade/internal/rebuild"
)

// OperationBoot is the only operation after which a reboot is considered;
// switch and test activate immediately.
const OperationBoot = "boot"

// State names a step of the run.
type State string

const (
	StateStart          State = "start"
	StateNetworkChecked State = "network-checked"
	StateUpgraded       State = "upgraded"
	StateImageCompared  State = "image-compared"
	StateWindowChecked  State = "window-checked"
	StateRebooted       State = "rebooted"
	StateDone           State = "done"
	StateFailed         State = "failed"
)

// ImageComparator reports whether the built system boots a different kernel,
// initrd or module set.
type ImageComparator interface {
	Changed(ctx context.Context) (bool, error)
}

// WindowEvaluator reports whether a reboot is permitted right now.
type WindowEvaluator interface {
	Permitted(ctx context.Context, w config.RebootWindow) (bool, error)
}

// Report describes what a run did.
type Report struct {
	RunID           string
	State           State
	LastState       State
	Args            []string
	DryRun          bool
	ImageChanged    bool
	RebootTriggered bool
	RebootDeferred  bool
	Started         time.Time
	Finished        time.Time
}

// Service runs the upgrade. Config must be fully loaded; Prober and Rebuilder
// are always required, Comparator and Rebooter only when rebooting is allowed,
// Window only when a reboot window is configured.
type Service struct {
	Config     config.UpgradeConfig
	Logger     *slog.Logger
	Prober     netprobe.Prober
	Rebuilder  rebuild.Rebuilder
	Comparator ImageComparator
	Window     WindowEvaluator
	Rebooter   reboot.Rebooter

	// DryRun stops after computing the command line.
	DryRun bool
	// RunID is copied into the Report. Callers tag Logger with it.
	RunID string
	Now   func() time.Time
}

// Run executes the upgrade. The returned Report is populated on failure too;
// its LastState is the last step completed.
func (s *Service) Run(ctx context.Context) (Report, error) {
	report := Report{RunID: s.RunID, State: StateStart, LastState: StateStart, DryRun: s.DryRun, Started: s.now()}
	logger := s.logger()

	err := s.run(ctx, logger, &report)
	report.Finished = s.now()
	if err != nil {
		report.State = StateFailed
		return report, err
	}
	report.State = StateDone
	return report, nil
}

func (s *Service) run(ctx context.Context, logger *slog.Logger, report *Report) error {
	if s.Prober == nil {
		return errors.New("network prober is not configured")
	}
	if s.Rebuilder == nil {
		return errors.New("rebuilder is not configured")
	}
	cfg := s.Config

	available, err := s.Prober.Available(ctx)
	if err != nil {
		return err
	}
	if !available {
		logger.Warn("network is not available, skipping upgrade")
		return ErrNetworkUnavailable
	}
	report.LastState = StateNetworkChecked

	report.Args = rebuild.Args(cfg)
	logger.Info("running nixos upgrade", "operation", cfg.Operation, "flake", cfg.Source, "channel", cfg.Channel)
	logger.Debug("running command", "command", command.Line(report.Args[0], report.Args[1:]...))
	if s.DryRun {
		logger.Info("dry run, not executing", "command", command.Line(report.Args[0], report.Args[1:]...))
		return nil
	}

	res, err := s.Rebuilder.Rebuild(ctx, report.Args)
	if err != nil {
		return &RebuildSpawnError{Stage: StageRebuild, Err: err}
	}
	if !res.Success() {
		return &RebuildFailedError{ExitCode: res.ExitCode}
	}
	report.LastState = StateUpgraded
	logger.Info("nixos upgrade completed successfully")

	if !cfg.AllowReboot || cfg.Operation != OperationBoot {
		logger.Debug("reboot not considered", "allow_reboot", cfg.AllowReboot, "operation", cfg.Operation)
		return nil
	}

	return s.rebootIfNeeded(ctx, logger, report)
}

func (s *Service) rebootIfNeeded(ctx context.Context, logger *slog.Logger, report *Report) error {
	cfg := s.Config
	if s.Comparator == nil {
		return &RebuildSpawnError{Stage: StageInspection, Err: errors.New("image comparator is not configured")}
	}

	changed, err := s.Comparator.Changed(ctx)
	if err != nil {
		return &RebuildSpawnError{Stage: StageInspection, Err: err}
	}
	report.ImageChanged = changed
	report.LastState = StateImageCompared
	if !changed {
		logger.Info("kernel, initrd and modules unchanged, no reboot needed")
		return nil
	}

	if w := cfg.RebootWindow; w != nil {
		permitted, err := s.permitted(ctx, *w)
		switch {
		case err != nil:
			// A broken clock must not hold back a required reboot forever.
			logger.Warn("failed to check reboot window, proceeding with reboot", "error", err)
		case !permitted:
			logger.Info("outside of configured reboot window, skipping reboot", "lower", w.Lower, "upper", w.Upper)
			report.RebootDeferred = true
			report.LastState = StateWindowChecked
			return nil
		}
		report.LastState = StateWindowChecked
	}

	if s.Rebooter == nil {
		return &RebuildSpawnError{Stage: StageReboot, Err: errors.New("rebooter is not configured")}
	}
	logger.Info("initiating reboot since kernel, initrd or modules have changed", "delay", cfg.Reboot.Delay)
	if err := s.Rebooter.Reboot(ctx, cfg.Reboot.Delay, cfg.Reboot.Message); err != nil {
		return &RebuildSpawnError{Stage: StageReboot, Err: err}
	}
	report.RebootTriggered = true
	report.LastState = StateRebooted
	return nil
}

func (s *Service) permitted(ctx context.Context, w config.RebootWindow) (bool, error) {
	if s.Window == nil {
		return false, errors.New("reboot window evaluator is not configured")
	}
	return s.Window.Permitted(ctx, w)
}

func (s *Service) logger() *slog.Logger {
	return logging.Ensure(s.Logger).With("component", "upgrade")
}

func (s *Service) now() time.Time {
	if s.Now != nil {
		return s.Now()
	}
	return time.Now()
}

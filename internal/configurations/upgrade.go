// Package configurations wires the concrete adapters into an upgrade run.
package configurations

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/shlex"
	"github.com/google/uuid"

	"github.com/cochaviz/nixos-upgrade/internal/command"
	"github.com/cochaviz/nixos-upgrade/internal/config"
	"github.com/cochaviz/nixos-upgrade/internal/image"
	"github.com/cochaviz/nixos-upgrade/internal/logging"
	"github.com/cochaviz/nixos-upgrade/internal/metrics"
	"github.com/cochaviz/nixos-upgrade/internal/netprobe"
	"github.com/cochaviz/nixos-upgrade/internal/reboot"
	"github.com/cochaviz/nixos-upgrade/internal/rebuild"
	"github.com/cochaviz/nixos-upgrade/internal/setup"
	"github.com/cochaviz/nixos-upgrade/internal/upgrade"
	"github.com/cochaviz/nixos-upgrade/internal/window"
)

// Clock sources selectable from the command line.
const (
	ClockLocal = "local"
	ClockDate  = "date"
)

// Symlink resolvers selectable from the command line.
const (
	ResolverReadlink = "readlink"
	ResolverEval     = "eval"
)

// Options are the invocation-level settings that are not part of the
// configuration file.
type Options struct {
	ConfigPath  string
	ExtraFlags  string
	DryRun      bool
	Clock       string
	Resolver    string
	MetricsFile string

	// SkipPreflight disables the root and PATH checks.
	SkipPreflight bool
}

// Effective loads the configuration and applies command-line additions.
func Effective(opts Options, logger *slog.Logger) (config.UpgradeConfig, error) {
	path := opts.ConfigPath
	if path == "" {
		path = config.DefaultPath
	}
	cfg, err := config.Load(path, logger)
	if err != nil {
		return config.UpgradeConfig{}, err
	}

	extra, err := shlex.Split(opts.ExtraFlags)
	if err != nil {
		return config.UpgradeConfig{}, fmt.Errorf("parse extra flags: %w", err)
	}
	if len(extra) > 0 {
		flags := make([]string, 0, len(cfg.Flags)+len(extra))
		flags = append(flags, cfg.Flags...)
		cfg.Flags = append(flags, extra...)
	}
	return cfg, nil
}

// Upgrade performs one complete run: load, preflight, orchestrate, and
// optionally record metrics. The metrics file is written on every return
// path so that early failures replace the previous outcome.
func Upgrade(ctx context.Context, opts Options, logger *slog.Logger) (report upgrade.Report, err error) {
	runID := uuid.New().String()
	logger = logging.Ensure(logger).With("run_id", runID)
	report = upgrade.Report{RunID: runID, State: upgrade.StateFailed, LastState: upgrade.StateStart, DryRun: opts.DryRun, Started: time.Now()}

	if opts.MetricsFile != "" {
		defer func() {
			if report.Finished.IsZero() {
				report.Finished = time.Now()
			}
			if werr := metrics.Write(opts.MetricsFile, outcome(report, err)); werr != nil {
				logger.Warn("failed to write metrics", "path", opts.MetricsFile, "error", werr)
			}
		}()
	}

	cfg, err := Effective(opts, logger)
	if err != nil {
		return report, fmt.Errorf("failed to load configuration: %w", err)
	}
	logger.Debug("using configuration",
		"operation", cfg.Operation,
		"flake", cfg.Source,
		"channel", cfg.Channel,
		"flags", cfg.Flags,
		"allow_reboot", cfg.AllowReboot,
		"network_strategy", cfg.NetworkCheck.Strategy,
	)

	service, err := NewService(cfg, opts, logger)
	if err != nil {
		return report, err
	}
	service.RunID = runID

	if !opts.SkipPreflight {
		checks := setup.Checks{
			DryRun:       opts.DryRun,
			DateClock:    strings.EqualFold(opts.Clock, ClockDate),
			EvalSymlinks: strings.EqualFold(opts.Resolver, ResolverEval),
		}
		if err := setup.Verify(cfg, checks); err != nil {
			return report, err
		}
	}

	report, err = service.Run(ctx)
	if err != nil {
		return report, fmt.Errorf("failed to upgrade NixOS: %w", err)
	}
	return report, nil
}

// NewService builds the orchestrator with the production adapters for cfg.
func NewService(cfg config.UpgradeConfig, opts Options, logger *slog.Logger) (*upgrade.Service, error) {
	logger = logging.Ensure(logger)
	runner := &command.ExecRunner{Logger: logger.With("component", "command")}

	prober, err := netprobe.New(cfg.NetworkCheck, logger)
	if err != nil {
		return nil, err
	}
	rebooter, err := reboot.New(cfg.Reboot, runner, logger.With("component", "reboot"))
	if err != nil {
		return nil, err
	}

	var clock window.Clock
	switch strings.ToLower(opts.Clock) {
	case "", ClockLocal:
		clock = window.LocalClock{}
	case ClockDate:
		clock = window.DateClock{Runner: runner}
	default:
		return nil, fmt.Errorf("unknown clock %q", opts.Clock)
	}

	var resolver image.Resolver
	switch strings.ToLower(opts.Resolver) {
	case "", ResolverReadlink:
		resolver = image.ReadlinkResolver{Runner: runner}
	case ResolverEval:
		resolver = image.EvalResolver{}
	default:
		return nil, fmt.Errorf("unknown image resolver %q", opts.Resolver)
	}

	return &upgrade.Service{
		Config:    cfg,
		Logger:    logger,
		Prober:    prober,
		Rebuilder: rebuild.CommandRebuilder{Runner: runner},
		Comparator: &image.Comparator{
			Resolver: resolver,
			Logger:   logger.With("component", "image"),
		},
		Window:   &window.Evaluator{Clock: clock, Logger: logger.With("component", "window")},
		Rebooter: rebooter,
		DryRun:   opts.DryRun,
	}, nil
}

func outcome(report upgrade.Report, err error) metrics.Outcome {
	stage := string(report.LastState)
	if stage == "" {
		stage = string(upgrade.StateStart)
	}
	return metrics.Outcome{
		Finished:        report.Finished,
		Duration:        report.Finished.Sub(report.Started),
		Success:         err == nil,
		Stage:           stage,
		RebootTriggered: report.RebootTriggered,
		RebootDeferred:  report.RebootDeferred,
		ImageChanged:    report.ImageChanged,
	}
}

package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/cochaviz/nixos-upgrade/internal/config"
	"github.com/cochaviz/nixos-upgrade/internal/configurations"
	"github.com/cochaviz/nixos-upgrade/internal/logging"
	"github.com/cochaviz/nixos-upgrade/internal/setup"
)

const (
	exitFailure     = 1
	exitInterrupted = 130
)

func main() {
	var levelVar slog.LevelVar
	levelVar.Set(slog.LevelInfo)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	cli := newCLI(os.Stderr, &levelVar)
	err := cli.root.ExecuteContext(ctx)
	logger := cli.logger
	if closeErr := cli.close(); closeErr != nil {
		logger.Warn("failed to close log file", "error", closeErr)
	}
	if err == nil {
		return
	}
	if errors.Is(err, context.Canceled) || ctx.Err() != nil {
		logger.Warn("upgrade interrupted", "error", err)
		os.Exit(exitInterrupted)
	}
	logger.Error("upgrade failed", "error", err)
	os.Exit(exitFailure)
}

type cli struct {
	root     *cobra.Command
	logger   *slog.Logger
	levelVar *slog.LevelVar
	console  io.Writer
	closeLog func() error

	opts      configurations.Options
	verbose   bool
	logLevel  string
	logFormat string
	logFile   string
}

func newCLI(console io.Writer, levelVar *slog.LevelVar) *cli {
	c := &cli{
		levelVar: levelVar,
		console:  console,
		logger:   logging.New(logging.FormatCLI, console, levelVar),
		closeLog: func() error { return nil },
	}
	slog.SetDefault(c.logger)

	root := &cobra.Command{
		Use:           "nixos-upgrade",
		Short:         "Upgrade NixOS and reboot when the kernel, initrd or modules changed",
		Args:          cobra.NoArgs,
		SilenceErrors: true,
		SilenceUsage:  true,
		RunE: func(cmd *cobra.Command, args []string) error {
			report, err := configurations.Upgrade(cmd.Context(), c.opts, c.logger)
			if err != nil {
				return err
			}
			c.logger.Debug("upgrade finished",
				"run_id", report.RunID,
				"reboot_triggered", report.RebootTriggered,
				"reboot_deferred", report.RebootDeferred,
				"duration", report.Finished.Sub(report.Started),
			)
			return nil
		},
	}
	root.PersistentPreRunE = func(cmd *cobra.Command, args []string) error {
		return c.configureLogging()
	}

	flags := root.PersistentFlags()
	flags.StringVarP(&c.opts.ConfigPath, "config", "c", config.DefaultPath, "Path to the configuration file")
	flags.BoolVarP(&c.verbose, "verbose", "v", false, "Enable debug logging, overriding --log-level")
	flags.StringVar(&c.logLevel, "log-level", "info", "Set log verbosity (debug, info, warning, error)")
	flags.StringVar(&c.logFormat, "log-format", string(logging.FormatCLI), "Log format (cli, json)")
	flags.StringVar(&c.logFile, "log-file", "", "Also write logs to this file, rotated")
	flags.StringVar(&c.opts.ExtraFlags, "extra-flags", "", "Additional nixos-rebuild flags, shell quoted")

	root.Flags().BoolVar(&c.opts.DryRun, "dry-run", false, "Check the network and print the nixos-rebuild command without running it")
	root.Flags().StringVar(&c.opts.MetricsFile, "metrics-file", "", "Write a Prometheus textfile describing the run")
	root.Flags().StringVar(&c.opts.Clock, "clock", configurations.ClockLocal, "Clock used for the reboot window (local, date)")
	root.Flags().StringVar(&c.opts.Resolver, "resolver", configurations.ResolverReadlink, "How boot image symlinks are resolved (readlink, eval)")

	root.AddCommand(c.newConfigCommand())
	c.root = root
	return c
}

func (c *cli) configureLogging() error {
	format, err := logging.ParseFormat(c.logFormat)
	if err != nil {
		return err
	}
	level, err := logging.ParseLevel(c.logLevel)
	if err != nil {
		return err
	}
	if c.verbose {
		level = slog.LevelDebug
	}
	c.levelVar.Set(level)

	out, closeLog := logging.Output(c.logFile, c.console)
	c.closeLog = closeLog
	c.logger = logging.New(format, out, c.levelVar)
	slog.SetDefault(c.logger)
	setup.SetLogger(c.logger.With("component", "setup"))
	return nil
}

func (c *cli) close() error {
	return c.closeLog()
}

func (c *cli) newConfigCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "config",
		Short: "Print the effective configuration",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := configurations.Effective(c.opts, c.logger.With("command", "config"))
			if err != nil {
				return fmt.Errorf("failed to load configuration: %w", err)
			}
			encoder := yaml.NewEncoder(cmd.OutOrStdout())
			encoder.SetIndent(2)
			if err := encoder.Encode(cfg); err != nil {
				return err
			}
			return encoder.Close()
		},
	}
}

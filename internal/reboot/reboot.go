// Package reboot schedules the reboot that activates a new kernel.
package reboot

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/cochaviz/nixos-upgrade/internal/command"
	"github.com/cochaviz/nixos-upgrade/internal/config"
	"github.com/cochaviz/nixos-upgrade/internal/logging"
)

// Methods accepted in the reboot.method field.
const (
	MethodShutdown = config.RebootMethodShutdown
	MethodLogind   = config.RebootMethodLogind
)

// Rebooter schedules a reboot after delay, announcing message to logged-in users.
type Rebooter interface {
	Reboot(ctx context.Context, delay, message string) error
}

// New builds the rebooter selected by cfg.
func New(cfg config.Reboot, runner command.Runner, logger *slog.Logger) (Rebooter, error) {
	switch strings.ToLower(cfg.Method) {
	case "", MethodShutdown:
		return &ShutdownRebooter{Runner: runner, Logger: logger}, nil
	case MethodLogind:
		return &LogindRebooter{Logger: logger}, nil
	default:
		return nil, fmt.Errorf("unknown reboot method %q", cfg.Method)
	}
}

// ShutdownRebooter runs `shutdown -r <delay> <message>`.
type ShutdownRebooter struct {
	Runner command.Runner
	Logger *slog.Logger
}

var _ Rebooter = (*ShutdownRebooter)(nil)

func (r *ShutdownRebooter) Reboot(ctx context.Context, delay, message string) error {
	if r.Runner == nil {
		return errors.New("shutdown rebooter has no command runner")
	}
	args := []string{"-r", delay}
	if message != "" {
		args = append(args, message)
	}

	logging.Ensure(r.Logger).Debug("scheduling reboot", "command", command.Line("shutdown", args...))
	res, err := r.Runner.Run(ctx, "shutdown", args...)
	if err != nil {
		return err
	}
	if !res.Success() {
		return fmt.Errorf("shutdown exited with status %d", res.ExitCode)
	}
	return nil
}

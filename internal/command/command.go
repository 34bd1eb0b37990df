// Package command runs the external programs the upgrade depends on.
//
// Every tool the orchestrator touches (nixos-rebuild, readlink, shutdown, date)
// goes through a Runner so that decision logic can be exercised with scripted
// results instead of real system tools.
package command

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"strings"
	"syscall"

	"github.com/cochaviz/nixos-upgrade/internal/logging"
)

// Result captures how a program terminated.
type Result struct {
	ExitCode int
	Stdout   []byte
}

// Success reports whether the program exited with status zero.
func (r Result) Success() bool {
	return r.ExitCode == 0
}

// Runner starts programs. Run returns an error only when the program could not
// be started or waited for; a non-zero exit is reported through Result.
type Runner interface {
	// Run executes name with args, streaming output to the process console.
	Run(ctx context.Context, name string, args ...string) (Result, error)
	// Output executes name with args and captures stdout.
	Output(ctx context.Context, name string, args ...string) (Result, error)
}

// ExecRunner is the Runner backed by os/exec.
type ExecRunner struct {
	Logger *slog.Logger
	Stdout io.Writer
	Stderr io.Writer
}

var _ Runner = (*ExecRunner)(nil)

func (r *ExecRunner) logger() *slog.Logger {
	if r != nil {
		return logging.Ensure(r.Logger)
	}
	return slog.Default()
}

func (r *ExecRunner) Run(ctx context.Context, name string, args ...string) (Result, error) {
	cmd := exec.CommandContext(ctx, name, args...)
	cmd.Stdout = r.stdout()
	cmd.Stderr = r.stderr()

	r.logger().Debug("running command", "command", Line(name, args...))
	return result(ctx, cmd.Run(), nil)
}

func (r *ExecRunner) Output(ctx context.Context, name string, args ...string) (Result, error) {
	var stdout bytes.Buffer
	cmd := exec.CommandContext(ctx, name, args...)
	cmd.Stdout = &stdout
	cmd.Stderr = r.stderr()

	r.logger().Debug("capturing command output", "command", Line(name, args...))
	return result(ctx, cmd.Run(), stdout.Bytes())
}

func (r *ExecRunner) stdout() io.Writer {
	if r != nil && r.Stdout != nil {
		return r.Stdout
	}
	return os.Stdout
}

func (r *ExecRunner) stderr() io.Writer {
	if r != nil && r.Stderr != nil {
		return r.Stderr
	}
	return os.Stderr
}

// signalExitBase is added to the signal number of a killed program, matching
// the status a shell reports.
const signalExitBase = 128

func result(ctx context.Context, err error, stdout []byte) (Result, error) {
	if err == nil {
		return Result{Stdout: stdout}, nil
	}
	var exitErr *exec.ExitError
	if !errors.As(err, &exitErr) {
		return Result{ExitCode: -1}, err
	}
	// A program killed because ctx ended did not fail on its own.
	if ctxErr := ctx.Err(); ctxErr != nil {
		return Result{ExitCode: -1}, ctxErr
	}
	if code := exitErr.ExitCode(); code >= 0 {
		return Result{ExitCode: code, Stdout: stdout}, nil
	}
	if status, ok := exitErr.Sys().(syscall.WaitStatus); ok && status.Signaled() {
		return Result{ExitCode: signalExitBase + int(status.Signal()), Stdout: stdout}, nil
	}
	return Result{ExitCode: signalExitBase, Stdout: stdout}, nil
}

// Line renders a command for logs.
func Line(name string, args ...string) string {
	parts := make([]string, 0, len(args)+1)
	parts = append(parts, name)
	for _, arg := range args {
		if arg == "" || strings.ContainsAny(arg, " \t\"'") {
			arg = fmt.Sprintf("%q", arg)
		}
		parts = append(parts, arg)
	}
	return strings.Join(parts, " ")
}

// Require checks that every named program is on PATH.
func Require(names ...string) error {
	for _, name := range names {
		if _, err := exec.LookPath(name); err != nil {
			return fmt.Errorf("%s not found: %w", name, err)
		}
	}
	return nil
}

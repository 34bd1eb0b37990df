// Package rebuild turns an upgrade configuration into a nixos-rebuild
// invocation and runs it.
package rebuild

import (
	"context"
	"errors"
	"fmt"

	"github.com/cochaviz/nixos-upgrade/internal/command"
	"github.com/cochaviz/nixos-upgrade/internal/config"
)

// Program is the system build tool.
const Program = "nixos-rebuild"

// Flags emitted by Args.
const (
	FlagUpgrade = "--upgrade"
	FlagRefresh = "--refresh"
	FlagFlake   = "--flake"
	FlagInclude = "-I"
)

// Args builds the full command line, program name first. The result depends
// only on cfg:
//
//	nixos-rebuild <operation>
//	  --upgrade                      when no flake is configured
//	  --refresh --flake <flake>      when a flake is configured
//	  -I nixpkgs=<channel>/nixexprs.tar.xz   when a channel is configured
//	  <flags...>                     verbatim, in order
func Args(cfg config.UpgradeConfig) []string {
	args := []string{Program, cfg.Operation}

	if cfg.HasSource() {
		args = append(args, FlagRefresh, FlagFlake, cfg.Source)
	} else {
		args = append(args, FlagUpgrade)
	}

	if cfg.Channel != "" {
		args = append(args, FlagInclude, ChannelExpression(cfg.Channel))
	}

	return append(args, cfg.Flags...)
}

// ChannelExpression points nixpkgs at the channel's expression tarball.
func ChannelExpression(channel string) string {
	return fmt.Sprintf("nixpkgs=%s/nixexprs.tar.xz", channel)
}

// Rebuilder runs a prepared nixos-rebuild command line.
type Rebuilder interface {
	Rebuild(ctx context.Context, args []string) (command.Result, error)
}

// CommandRebuilder runs the command through a command.Runner.
type CommandRebuilder struct {
	Runner command.Runner
}

var _ Rebuilder = CommandRebuilder{}

func (r CommandRebuilder) Rebuild(ctx context.Context, args []string) (command.Result, error) {
	if len(args) == 0 {
		return command.Result{ExitCode: -1}, errors.New("no command provided")
	}
	if r.Runner == nil {
		return command.Result{ExitCode: -1}, errors.New("rebuilder has no command runner")
	}
	return r.Runner.Run(ctx, args[0], args[1:]...)
}

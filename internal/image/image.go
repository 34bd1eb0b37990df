// Package image tells whether the freshly built system would boot a different
// kernel, initrd or module set than the one currently running.
package image

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"path"
	"path/filepath"
	"strings"

	"github.com/cochaviz/nixos-upgrade/internal/command"
	"github.com/cochaviz/nixos-upgrade/internal/logging"
)

const (
	// BootedProfile is the system the machine is currently running.
	BootedProfile = "/run/booted-system"
	// BuiltProfile is the system profile the rebuild just produced.
	BuiltProfile = "/nix/var/nix/profiles/system"
)

// Components are the boot-critical profile entries, in comparison order.
var Components = []string{"kernel", "initrd", "kernel-modules"}

// Paths returns the component paths under profile.
func Paths(profile string) []string {
	paths := make([]string, 0, len(Components))
	for _, component := range Components {
		paths = append(paths, path.Join(profile, component))
	}
	return paths
}

// Resolver dereferences every symlink in paths and returns the resolved paths
// in a stable textual form.
type Resolver interface {
	Resolve(ctx context.Context, paths ...string) ([]byte, error)
}

// Comparator diffs the booted and built profiles.
type Comparator struct {
	Resolver Resolver
	Booted   string
	Built    string
	Logger   *slog.Logger
}

// Changed reports whether any resolved component differs. The comparison is
// byte for byte on the resolver output; no version semantics are involved.
func (c *Comparator) Changed(ctx context.Context) (bool, error) {
	if c.Resolver == nil {
		return false, errors.New("image comparator has no resolver")
	}
	booted, built := c.Booted, c.Built
	if booted == "" {
		booted = BootedProfile
	}
	if built == "" {
		built = BuiltProfile
	}

	current, err := c.Resolver.Resolve(ctx, Paths(booted)...)
	if err != nil {
		return false, fmt.Errorf("resolve booted system: %w", err)
	}
	next, err := c.Resolver.Resolve(ctx, Paths(built)...)
	if err != nil {
		return false, fmt.Errorf("resolve built system: %w", err)
	}

	changed := !bytes.Equal(current, next)
	logging.Ensure(c.Logger).Debug("compared system images",
		"booted", strings.TrimSpace(string(current)),
		"built", strings.TrimSpace(string(next)),
		"changed", changed,
	)
	return changed, nil
}

// ReadlinkResolver runs `readlink -f` once over all paths.
type ReadlinkResolver struct {
	Runner command.Runner
}

func (r ReadlinkResolver) Resolve(ctx context.Context, paths ...string) ([]byte, error) {
	if r.Runner == nil {
		return nil, errors.New("readlink resolver has no command runner")
	}
	res, err := r.Runner.Output(ctx, "readlink", append([]string{"-f"}, paths...)...)
	if err != nil {
		return nil, err
	}
	return res.Stdout, nil
}

// EvalResolver resolves paths in-process, one per line, for hosts without
// coreutils. Unresolvable paths produce an empty line, as readlink -f does.
type EvalResolver struct{}

func (EvalResolver) Resolve(_ context.Context, paths ...string) ([]byte, error) {
	var buf bytes.Buffer
	for _, p := range paths {
		resolved, err := filepath.EvalSymlinks(p)
		if err != nil {
			resolved = ""
		}
		buf.WriteString(resolved)
		buf.WriteByte('\n')
	}
	return buf.Bytes(), nil
}

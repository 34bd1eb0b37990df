package upgrade

import (
	"context"
	"errors"
	"os/exec"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cochaviz/nixos-upgrade/internal/command"
	"github.com/cochaviz/nixos-upgrade/internal/config"
	"github.com/cochaviz/nixos-upgrade/internal/logging"
	"github.com/cochaviz/nixos-upgrade/internal/netprobe"
	"github.com/cochaviz/nixos-upgrade/internal/window"
)

type stubProber struct {
	available bool
	err       error
	calls     int
}

func (p *stubProber) Available(context.Context) (bool, error) {
	p.calls++
	return p.available, p.err
}

type stubRebuilder struct {
	result command.Result
	err    error
	calls  [][]string
}

func (r *stubRebuilder) Rebuild(_ context.Context, args []string) (command.Result, error) {
	r.calls = append(r.calls, args)
	return r.result, r.err
}

type stubComparator struct {
	changed bool
	err     error
	calls   int
}

func (c *stubComparator) Changed(context.Context) (bool, error) {
	c.calls++
	return c.changed, c.err
}

type stubRebooter struct {
	err   error
	calls []string
}

func (r *stubRebooter) Reboot(_ context.Context, delay, message string) error {
	r.calls = append(r.calls, delay+" "+message)
	return r.err
}

type failingClock struct{}

func (failingClock) Now(context.Context) (string, error) {
	return "", errors.New("exec: date: not found")
}

type fixture struct {
	prober     *stubProber
	rebuilder  *stubRebuilder
	comparator *stubComparator
	rebooter   *stubRebooter
	service    *Service
}

func newFixture(cfg config.UpgradeConfig, now string) *fixture {
	f := &fixture{
		prober:     &stubProber{available: true},
		rebuilder:  &stubRebuilder{},
		comparator: &stubComparator{},
		rebooter:   &stubRebooter{},
	}
	f.service = &Service{
		Config:     cfg,
		Logger:     logging.Discard(),
		Prober:     f.prober,
		Rebuilder:  f.rebuilder,
		Comparator: f.comparator,
		Window:     &window.Evaluator{Clock: window.FixedClock(now), Logger: logging.Discard()},
		Rebooter:   f.rebooter,
		RunID:      "test-run",
	}
	return f
}

func rebootConfig(w *config.RebootWindow) config.UpgradeConfig {
	cfg := config.Default()
	cfg.AllowReboot = true
	cfg.RebootWindow = w
	return cfg
}

func TestRunDefaultConfigWithoutReboot(t *testing.T) {
	t.Parallel()

	f := newFixture(config.Default(), "12:00")
	f.comparator.changed = true

	report, err := f.service.Run(context.Background())
	require.NoError(t, err)

	assert.Equal(t, StateDone, report.State)
	assert.Equal(t, StateUpgraded, report.LastState)
	assert.Len(t, f.rebuilder.calls, 1, "rebuild must run exactly once")
	assert.Empty(t, f.rebooter.calls)
	assert.Zero(t, f.comparator.calls, "image inspection must not run when reboot is not allowed")
	assert.Equal(t, []string{"nixos-rebuild", "boot", "--upgrade", "--no-build-output"}, report.Args)
}

func TestRunFlakeAndChannelArguments(t *testing.T) {
	t.Parallel()

	cfg := config.Default()
	cfg.Source = "github:org/repo"
	cfg.Channel = "https://nixos.org/channels/nixos-unstable"
	f := newFixture(cfg, "12:00")

	_, err := f.service.Run(context.Background())
	require.NoError(t, err)
	require.Len(t, f.rebuilder.calls, 1)

	want := []string{
		"nixos-rebuild", "boot", "--refresh", "--flake", "github:org/repo",
		"-I", "nixpkgs=https://nixos.org/channels/nixos-unstable/nixexprs.tar.xz",
		"--no-build-output",
	}
	if diff := cmp.Diff(want, f.rebuilder.calls[0]); diff != "" {
		t.Fatalf("rebuild args mismatch (-want +got):\n%s", diff)
	}
	assert.NotContains(t, f.rebuilder.calls[0], "--upgrade")
}

// No network fails the run: the caller learns that no upgrade happened.
func TestRunNetworkUnavailableFailsRun(t *testing.T) {
	t.Parallel()

	f := newFixture(config.Default(), "12:00")
	f.prober.available = false

	report, err := f.service.Run(context.Background())
	require.ErrorIs(t, err, ErrNetworkUnavailable)
	assert.NotErrorIs(t, err, netprobe.ErrNetworkCheck)
	assert.Equal(t, StateFailed, report.State)
	assert.Equal(t, StateStart, report.LastState)
	assert.Empty(t, f.rebuilder.calls)
}

func TestRunProbeFailurePropagates(t *testing.T) {
	t.Parallel()

	f := newFixture(config.Default(), "12:00")
	f.prober.err = &netprobe.CheckError{Strategy: "tcp", Err: errors.New("no endpoints configured")}

	_, err := f.service.Run(context.Background())
	require.ErrorIs(t, err, netprobe.ErrNetworkCheck)
	assert.NotErrorIs(t, err, ErrNetworkUnavailable)
	assert.Empty(t, f.rebuilder.calls)
}

// killedRebuilder stands in for a nixos-rebuild that dies from SIGKILL.
type killedRebuilder struct {
	runner command.Runner
}

func (r killedRebuilder) Rebuild(ctx context.Context, _ []string) (command.Result, error) {
	return r.runner.Run(ctx, "sh", "-c", "kill -9 $$")
}

func TestRunRebuildFailures(t *testing.T) {
	t.Parallel()

	t.Run("non-zero exit", func(t *testing.T) {
		t.Parallel()
		f := newFixture(rebootConfig(nil), "12:00")
		f.rebuilder.result = command.Result{ExitCode: 1}

		_, err := f.service.Run(context.Background())
		require.ErrorIs(t, err, ErrRebuildFailed)
		assert.NotErrorIs(t, err, ErrRebuildSpawn)

		var failed *RebuildFailedError
		require.True(t, errors.As(err, &failed))
		assert.Equal(t, 1, failed.ExitCode)
		assert.Len(t, f.rebuilder.calls, 1, "failed rebuilds are not retried")
		assert.Zero(t, f.comparator.calls)
	})

	t.Run("killed by signal", func(t *testing.T) {
		t.Parallel()
		if _, err := exec.LookPath("sh"); err != nil {
			t.Skip("sh not available")
		}
		f := newFixture(rebootConfig(nil), "12:00")
		f.service.Rebuilder = killedRebuilder{runner: &command.ExecRunner{Logger: logging.Discard()}}

		_, err := f.service.Run(context.Background())
		require.ErrorIs(t, err, ErrRebuildFailed)
		assert.NotErrorIs(t, err, ErrRebuildSpawn)

		var failed *RebuildFailedError
		require.True(t, errors.As(err, &failed))
		assert.Equal(t, 137, failed.ExitCode)
	})

	t.Run("spawn failure", func(t *testing.T) {
		t.Parallel()
		f := newFixture(rebootConfig(nil), "12:00")
		cause := errors.New("exec: \"nixos-rebuild\": executable file not found in $PATH")
		f.rebuilder.err = cause

		_, err := f.service.Run(context.Background())
		require.ErrorIs(t, err, ErrRebuildSpawn)
		assert.ErrorIs(t, err, cause)

		var spawn *RebuildSpawnError
		require.True(t, errors.As(err, &spawn))
		assert.Equal(t, StageRebuild, spawn.Stage)
		assert.Len(t, f.rebuilder.calls, 1)
		assert.Empty(t, f.rebooter.calls)
	})
}

func TestRunRebootOnlyAfterBoot(t *testing.T) {
	t.Parallel()

	for _, op := range []string{"switch", "test", "build"} {
		t.Run(op, func(t *testing.T) {
			t.Parallel()
			cfg := rebootConfig(nil)
			cfg.Operation = op
			f := newFixture(cfg, "12:00")
			f.comparator.changed = true

			_, err := f.service.Run(context.Background())
			require.NoError(t, err)
			assert.Zero(t, f.comparator.calls)
			assert.Empty(t, f.rebooter.calls)
		})
	}
}

func TestRunIdenticalImagesNeverReboot(t *testing.T) {
	t.Parallel()

	f := newFixture(rebootConfig(nil), "12:00")
	f.comparator.changed = false

	report, err := f.service.Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, f.comparator.calls)
	assert.Empty(t, f.rebooter.calls)
	assert.False(t, report.ImageChanged)
	assert.Equal(t, StateImageCompared, report.LastState)
}

func TestRunRebootWithoutWindow(t *testing.T) {
	t.Parallel()

	f := newFixture(rebootConfig(nil), "12:00")
	f.comparator.changed = true

	report, err := f.service.Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []string{"+1 NixOS upgrade requires reboot"}, f.rebooter.calls)
	assert.True(t, report.RebootTriggered)
	assert.Equal(t, StateRebooted, report.LastState)
	assert.Equal(t, StateDone, report.State)
}

func TestRunRebootWindow(t *testing.T) {
	t.Parallel()

	overnight := &config.RebootWindow{Lower: "22:00", Upper: "06:00"}
	tests := []struct {
		name         string
		now          string
		wantReboot   bool
		wantDeferred bool
	}{
		{name: "inside crossing midnight", now: "23:30", wantReboot: true},
		{name: "early morning", now: "05:59", wantReboot: true},
		{name: "midday", now: "12:00", wantDeferred: true},
		{name: "exactly lower bound", now: "22:00", wantDeferred: true},
		{name: "exactly upper bound", now: "06:00", wantDeferred: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			f := newFixture(rebootConfig(overnight), tt.now)
			f.comparator.changed = true

			report, err := f.service.Run(context.Background())
			require.NoError(t, err, "deferral is not a failure")
			assert.Equal(t, StateDone, report.State)
			assert.Equal(t, tt.wantReboot, len(f.rebooter.calls) == 1)
			assert.Equal(t, tt.wantReboot, report.RebootTriggered)
			assert.Equal(t, tt.wantDeferred, report.RebootDeferred)
			wantState := StateWindowChecked
			if tt.wantReboot {
				wantState = StateRebooted
			}
			assert.Equal(t, wantState, report.LastState)
		})
	}
}

// A failing clock fails open, unlike a failing network probe.
func TestRunWindowErrorFailsOpen(t *testing.T) {
	t.Parallel()

	f := newFixture(rebootConfig(&config.RebootWindow{Lower: "01:00", Upper: "02:00"}), "")
	f.service.Window = &window.Evaluator{Clock: failingClock{}, Logger: logging.Discard()}
	f.comparator.changed = true

	report, err := f.service.Run(context.Background())
	require.NoError(t, err)
	assert.Len(t, f.rebooter.calls, 1)
	assert.True(t, report.RebootTriggered)
}

func TestRunInspectionFailureIsFatal(t *testing.T) {
	t.Parallel()

	f := newFixture(rebootConfig(nil), "12:00")
	f.comparator.err = errors.New("exec: readlink: not found")

	_, err := f.service.Run(context.Background())
	require.ErrorIs(t, err, ErrRebuildSpawn)

	var spawn *RebuildSpawnError
	require.True(t, errors.As(err, &spawn))
	assert.Equal(t, StageInspection, spawn.Stage)
	assert.Empty(t, f.rebooter.calls)
}

func TestRunRebootFailureIsFatal(t *testing.T) {
	t.Parallel()

	f := newFixture(rebootConfig(nil), "12:00")
	f.comparator.changed = true
	f.rebooter.err = errors.New("exec: shutdown: not found")

	report, err := f.service.Run(context.Background())
	require.ErrorIs(t, err, ErrRebuildSpawn)
	assert.Equal(t, StateFailed, report.State)
	assert.False(t, report.RebootTriggered)

	var spawn *RebuildSpawnError
	require.True(t, errors.As(err, &spawn))
	assert.Equal(t, StageReboot, spawn.Stage)
}

func TestRunDryRunExecutesNothing(t *testing.T) {
	t.Parallel()

	f := newFixture(rebootConfig(nil), "12:00")
	f.service.DryRun = true

	report, err := f.service.Run(context.Background())
	require.NoError(t, err)
	assert.True(t, report.DryRun)
	assert.NotEmpty(t, report.Args)
	assert.Empty(t, f.rebuilder.calls)
	assert.Zero(t, f.comparator.calls)
	assert.Empty(t, f.rebooter.calls)
}

func TestRunMissingCollaborators(t *testing.T) {
	t.Parallel()

	_, err := (&Service{Config: config.Default(), Logger: logging.Discard()}).Run(context.Background())
	assert.Error(t, err)
}

func TestErrorMessages(t *testing.T) {
	t.Parallel()

	assert.Equal(t, "nixos-rebuild failed with exit code: 2", (&RebuildFailedError{ExitCode: 2}).Error())
	assert.Equal(t, "failed to trigger reboot: boom", (&RebuildSpawnError{Stage: StageReboot, Err: errors.New("boom")}).Error())
	assert.Equal(t, "network is not available", ErrNetworkUnavailable.Error())
}

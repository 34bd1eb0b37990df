package setup

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/cochaviz/nixos-upgrade/internal/config"
)

func TestRequiredCommands(t *testing.T) {
	cfg := config.Default()
	assert.Equal(t, []string{"nixos-rebuild"}, RequiredCommands(cfg, Checks{}))
	assert.Empty(t, RequiredCommands(cfg, Checks{DryRun: true}))

	cfg.AllowReboot = true
	assert.Equal(t, []string{"nixos-rebuild", "readlink", "shutdown"}, RequiredCommands(cfg, Checks{}))

	cfg.Reboot.Method = "logind"
	assert.Equal(t, []string{"nixos-rebuild", "readlink"}, RequiredCommands(cfg, Checks{}))
}

func TestRequiredCommandsDateClock(t *testing.T) {
	cfg := config.Default()
	cfg.AllowReboot = true

	assert.NotContains(t, RequiredCommands(cfg, Checks{DateClock: true}), "date", "no window, no clock reading")

	cfg.RebootWindow = &config.RebootWindow{Lower: "01:00", Upper: "05:00"}
	assert.Equal(t, []string{"nixos-rebuild", "readlink", "date", "shutdown"}, RequiredCommands(cfg, Checks{DateClock: true}))
	assert.NotContains(t, RequiredCommands(cfg, Checks{}), "date")
	assert.Empty(t, RequiredCommands(cfg, Checks{DryRun: true, DateClock: true}))
}

func TestRequiredCommandsEvalSymlinks(t *testing.T) {
	cfg := config.Default()
	cfg.AllowReboot = true

	assert.Equal(t, []string{"nixos-rebuild", "shutdown"}, RequiredCommands(cfg, Checks{EvalSymlinks: true}))
}

func TestRequireRoot(t *testing.T) {
	original := geteuid
	t.Cleanup(func() { geteuid = original })

	geteuid = func() int { return 1000 }
	assert.ErrorIs(t, RequireRoot(), ErrNotRoot)
	assert.ErrorIs(t, Verify(config.Default(), Checks{}), ErrNotRoot)

	geteuid = func() int { return 0 }
	assert.NoError(t, RequireRoot())
}

func TestVerifyDryRunSkipsChecks(t *testing.T) {
	original := geteuid
	t.Cleanup(func() { geteuid = original })
	geteuid = func() int { return 1000 }

	assert.NoError(t, Verify(config.Default(), Checks{DryRun: true}))
}

package reboot

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/godbus/dbus/v5"

	"github.com/cochaviz/nixos-upgrade/internal/config"
	"github.com/cochaviz/nixos-upgrade/internal/logging"
)

const (
	logindDest         = "org.freedesktop.login1"
	logindPath         = dbus.ObjectPath("/org/freedesktop/login1")
	methodSetWall      = "org.freedesktop.login1.Manager.SetWallMessage"
	methodSchedule     = "org.freedesktop.login1.Manager.ScheduleShutdown"
	logindCallTimeout  = 5 * time.Second
	scheduleRebootType = "reboot"
)

// caller is the part of dbus.BusObject used here.
type caller interface {
	CallWithContext(ctx context.Context, method string, flags dbus.Flags, args ...interface{}) *dbus.Call
}

// LogindRebooter asks systemd-logind to schedule the reboot over the system bus.
type LogindRebooter struct {
	Logger *slog.Logger

	// Object overrides the login1 manager object, for tests.
	Object caller
	// Now overrides time.Now, for tests.
	Now func() time.Time
}

var _ Rebooter = (*LogindRebooter)(nil)

func (r *LogindRebooter) Reboot(ctx context.Context, delay, message string) error {
	offset, err := config.ParseRebootDelay(delay)
	if err != nil {
		return err
	}

	obj := r.Object
	if obj == nil {
		conn, err := dbus.SystemBus()
		if err != nil {
			return fmt.Errorf("get dbus: %w", err)
		}
		obj = conn.Object(logindDest, logindPath)
	}

	now := time.Now
	if r.Now != nil {
		now = r.Now
	}
	at := uint64(now().Add(offset).UnixMicro())

	ctx, cancel := context.WithTimeout(ctx, logindCallTimeout)
	defer cancel()

	logger := logging.Ensure(r.Logger)
	if message != "" {
		if err := obj.CallWithContext(ctx, methodSetWall, 0, message, true).Store(); err != nil {
			logger.Warn("failed to set wall message", "error", err)
		}
	}

	logger.Debug("scheduling reboot via logind", "at_usec", at, "delay", offset)
	if err := obj.CallWithContext(ctx, methodSchedule, 0, scheduleRebootType, at).Store(); err != nil {
		return fmt.Errorf("schedule reboot via logind: %w", err)
	}
	return nil
}

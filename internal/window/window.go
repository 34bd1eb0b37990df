// Package window decides whether the current time of day falls inside the
// configured reboot window.
//
// Times are zero-padded 24-hour "HH:MM" strings compared lexicographically.
// The fixed width makes string order equal to chronological order, so no
// date arithmetic or time zone handling is needed. Both bounds are exclusive:
// a clock reading equal to either bound is outside the window.
package window

import (
	"context"
	"fmt"
	"log/slog"
	"regexp"

	"github.com/cochaviz/nixos-upgrade/internal/config"
	"github.com/cochaviz/nixos-upgrade/internal/logging"
)

var clockPattern = regexp.MustCompile(`^([01][0-9]|2[0-3]):[0-5][0-9]$`)

// IsWithin reports whether now lies strictly between the window bounds. When
// lower is not before upper the window wraps around midnight.
func IsWithin(w config.RebootWindow, now string) bool {
	if w.Lower < w.Upper {
		return w.Lower < now && now < w.Upper
	}
	return now < w.Upper || now > w.Lower
}

// Evaluator combines a Clock with IsWithin.
type Evaluator struct {
	Clock  Clock
	Logger *slog.Logger
}

// Permitted reports whether a reboot is allowed right now. Clock failures are
// returned to the caller, which owns the fallback policy.
func (e *Evaluator) Permitted(ctx context.Context, w config.RebootWindow) (bool, error) {
	clock := e.Clock
	if clock == nil {
		clock = LocalClock{}
	}

	now, err := clock.Now(ctx)
	if err != nil {
		return false, fmt.Errorf("get current time: %w", err)
	}
	if !clockPattern.MatchString(now) {
		return false, fmt.Errorf("current time %q is not a zero-padded HH:MM time", now)
	}

	within := IsWithin(w, now)
	logging.Ensure(e.Logger).Debug("evaluated reboot window",
		"lower", w.Lower,
		"upper", w.Upper,
		"now", now,
		"crosses_midnight", w.Lower >= w.Upper,
		"within", within,
	)
	return within, nil
}

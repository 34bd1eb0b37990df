package window

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/cochaviz/nixos-upgrade/internal/command"
)

// Clock yields the current local time of day as "HH:MM".
type Clock interface {
	Now(ctx context.Context) (string, error)
}

// LocalClock reads the process clock in the local zone.
type LocalClock struct {
	// Time overrides time.Now, for tests.
	Time func() time.Time
}

func (c LocalClock) Now(context.Context) (string, error) {
	now := time.Now
	if c.Time != nil {
		now = c.Time
	}
	return now().Local().Format("15:04"), nil
}

// DateClock asks date(1) for the time, which honours the system time zone even
// when the process environment does not.
type DateClock struct {
	Runner command.Runner
}

func (c DateClock) Now(ctx context.Context) (string, error) {
	if c.Runner == nil {
		return "", errors.New("date clock has no command runner")
	}
	res, err := c.Runner.Output(ctx, "date", "+%H:%M")
	if err != nil {
		return "", err
	}
	if !res.Success() {
		return "", fmt.Errorf("date exited with status %d", res.ExitCode)
	}
	return strings.TrimSpace(string(res.Stdout)), nil
}

// FixedClock always reports the same time.
type FixedClock string

func (c FixedClock) Now(context.Context) (string, error) {
	return string(c), nil
}

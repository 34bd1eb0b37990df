package netprobe

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/hashicorp/go-multierror"

	"github.com/cochaviz/nixos-upgrade/internal/logging"
)

// errNotAttempted marks an endpoint that could not even be tried, such as a
// malformed address.
var errNotAttempted = errors.New("endpoint not attempted")

type attemptFunc func(ctx context.Context, endpoint string) error

// sequence tries endpoints in order and stops at the first success. It reports
// unavailable when at least one endpoint was attempted and none succeeded, and
// a CheckError only when no endpoint could be attempted at all.
func sequence(ctx context.Context, logger *slog.Logger, strategy string, endpoints []string, attempt attemptFunc) (bool, error) {
	logger = logging.Ensure(logger).With("component", "netprobe", "strategy", strategy)

	var (
		merr      *multierror.Error
		attempted int
	)
	for _, endpoint := range endpoints {
		if err := ctx.Err(); err != nil {
			return false, err
		}

		err := attempt(ctx, endpoint)
		if err == nil {
			logger.Info("network connectivity confirmed", "endpoint", endpoint)
			return true, nil
		}
		if errors.Is(err, errNotAttempted) {
			logger.Debug("skipping endpoint", "endpoint", endpoint, "error", err)
		} else {
			attempted++
			logger.Debug("endpoint unreachable", "endpoint", endpoint, "error", err)
		}
		merr = multierror.Append(merr, fmt.Errorf("%s: %w", endpoint, err))
	}

	if attempted == 0 {
		if merr == nil {
			return false, &CheckError{Strategy: strategy, Err: errors.New("no endpoints configured")}
		}
		return false, &CheckError{Strategy: strategy, Err: merr.ErrorOrNil()}
	}

	logger.Warn("no network connectivity detected", "attempted", attempted, "errors", merr.ErrorOrNil())
	return false, nil
}

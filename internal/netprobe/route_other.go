//go:build !linux

package netprobe

import (
	"context"
	"errors"
	"log/slog"
)

// RouteProber is only implemented on Linux.
type RouteProber struct {
	Namespace string
	Logger    *slog.Logger
}

var _ Prober = (*RouteProber)(nil)

func (p *RouteProber) Available(context.Context) (bool, error) {
	return false, &CheckError{Strategy: StrategyRoute, Err: errors.New("routing table inspection requires linux")}
}

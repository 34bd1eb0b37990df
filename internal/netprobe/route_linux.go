//go:build linux

package netprobe

import (
	"context"
	"fmt"
	"log/slog"
	"syscall"

	"github.com/vishvananda/netlink"
	"github.com/vishvananda/netns"

	"github.com/cochaviz/nixos-upgrade/internal/logging"
)

// RouteProber treats a default route in the main routing table as evidence of
// connectivity. With Namespace set, the table of that named network namespace
// is inspected instead of the caller's.
type RouteProber struct {
	Namespace string
	Logger    *slog.Logger

	// ListRoutes overrides the netlink lookup, for tests.
	ListRoutes func() ([]netlink.Route, error)
}

var _ Prober = (*RouteProber)(nil)

func (p *RouteProber) Available(ctx context.Context) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	logger := logging.Ensure(p.Logger).With("component", "netprobe", "strategy", StrategyRoute)

	list := p.ListRoutes
	if list == nil {
		list = p.mainTableRoutes
	}
	routes, err := list()
	if err != nil {
		return false, &CheckError{Strategy: StrategyRoute, Err: err}
	}

	for _, route := range routes {
		if isDefaultRoute(route) {
			logger.Info("network connectivity confirmed", "gateway", route.Gw, "link_index", route.LinkIndex, "namespace", p.Namespace)
			return true, nil
		}
	}

	logger.Warn("no default route found", "routes", len(routes), "namespace", p.Namespace)
	return false, nil
}

func (p *RouteProber) mainTableRoutes() ([]netlink.Route, error) {
	handle, err := p.handle()
	if err != nil {
		return nil, err
	}
	defer handle.Close()

	var routes []netlink.Route
	for _, family := range []int{netlink.FAMILY_V4, netlink.FAMILY_V6} {
		found, err := handle.RouteListFiltered(family, &netlink.Route{Table: syscall.RT_TABLE_MAIN}, netlink.RT_FILTER_TABLE)
		if err != nil {
			return nil, fmt.Errorf("list routes for family %d: %w", family, err)
		}
		routes = append(routes, found...)
	}
	return routes, nil
}

func (p *RouteProber) handle() (*netlink.Handle, error) {
	if p.Namespace == "" {
		return netlink.NewHandle()
	}

	ns, err := netns.GetFromName(p.Namespace)
	if err != nil {
		return nil, fmt.Errorf("open network namespace %s: %w", p.Namespace, err)
	}
	defer ns.Close()

	handle, err := netlink.NewHandleAt(ns)
	if err != nil {
		return nil, fmt.Errorf("netlink handle in namespace %s: %w", p.Namespace, err)
	}
	return handle, nil
}

func isDefaultRoute(route netlink.Route) bool {
	if route.Dst == nil {
		return true
	}
	ones, _ := route.Dst.Mask.Size()
	return ones == 0 && route.Dst.IP.IsUnspecified()
}

// Package netprobe decides whether the machine has outbound connectivity
// before an upgrade that needs to download anything is attempted.
//
// "Available" is only ever reported on positive evidence: an established
// connection, a DNS answer, an echo reply, or a default route in the kernel
// routing table. Every prober is read-only.
package netprobe

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/netip"
	"strings"
	"time"

	"github.com/cochaviz/nixos-upgrade/internal/config"
)

// Strategies accepted in the networkCheck.strategy field.
const (
	StrategyTCP   = config.StrategyTCP
	StrategyDNS   = config.StrategyDNS
	StrategyICMP  = config.StrategyICMP
	StrategyRoute = config.StrategyRoute
)

// ErrNetworkCheck reports that the probe mechanism itself failed, as opposed
// to the network being unreachable.
var ErrNetworkCheck = errors.New("network check error")

// CheckError carries the cause of a failed probe.
type CheckError struct {
	Strategy string
	Err      error
}

func (e *CheckError) Error() string {
	return fmt.Sprintf("failed to check network connectivity (%s): %v", e.Strategy, e.Err)
}

func (e *CheckError) Unwrap() error { return e.Err }

func (e *CheckError) Is(target error) bool { return target == ErrNetworkCheck }

// Prober reports whether outbound connectivity exists.
type Prober interface {
	Available(ctx context.Context) (bool, error)
}

// New builds the prober selected by cfg.
func New(cfg config.NetworkCheck, logger *slog.Logger) (Prober, error) {
	timeout := cfg.Timeout
	if timeout <= 0 || timeout > config.MaxProbeTimeout {
		timeout = config.MaxProbeTimeout
	}
	endpoints := cfg.Endpoints

	switch strings.ToLower(cfg.Strategy) {
	case "", StrategyTCP:
		return &TCPProber{Endpoints: endpoints, Timeout: timeout, Logger: logger}, nil
	case StrategyDNS:
		return &DNSProber{Endpoints: endpoints, Timeout: timeout, Logger: logger}, nil
	case StrategyICMP:
		return &ICMPProber{Endpoints: endpoints, Timeout: timeout, Privileged: true, Logger: logger}, nil
	case StrategyRoute:
		return &RouteProber{Namespace: cfg.Namespace, Logger: logger}, nil
	default:
		return nil, fmt.Errorf("unknown network check strategy %q", cfg.Strategy)
	}
}

// parseEndpoint accepts "ip:port" literals only. Host names would need a
// resolver, which is itself a network dependency.
func parseEndpoint(endpoint string) (netip.AddrPort, error) {
	return netip.ParseAddrPort(strings.TrimSpace(endpoint))
}

// endpointHost accepts either "ip:port" or a bare IP.
func endpointHost(endpoint string) (netip.Addr, error) {
	endpoint = strings.TrimSpace(endpoint)
	if addrPort, err := netip.ParseAddrPort(endpoint); err == nil {
		return addrPort.Addr(), nil
	}
	return netip.ParseAddr(endpoint)
}

func dialer(timeout time.Duration) *net.Dialer {
	return &net.Dialer{Timeout: timeout}
}

package netprobe

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"time"
)

// TCPProber opens a TCP connection to each endpoint in turn.
type TCPProber struct {
	Endpoints []string
	Timeout   time.Duration
	Logger    *slog.Logger

	// Dial overrides the connection function, for tests.
	Dial func(ctx context.Context, network, address string) (net.Conn, error)
}

var _ Prober = (*TCPProber)(nil)

func (p *TCPProber) Available(ctx context.Context) (bool, error) {
	return sequence(ctx, p.Logger, StrategyTCP, p.Endpoints, p.connect)
}

func (p *TCPProber) connect(ctx context.Context, endpoint string) error {
	addr, err := parseEndpoint(endpoint)
	if err != nil {
		return fmt.Errorf("%w: %v", errNotAttempted, err)
	}

	ctx, cancel := context.WithTimeout(ctx, p.Timeout)
	defer cancel()

	dial := p.Dial
	if dial == nil {
		dial = dialer(p.Timeout).DialContext
	}
	conn, err := dial(ctx, "tcp", addr.String())
	if err != nil {
		return err
	}
	return conn.Close()
}

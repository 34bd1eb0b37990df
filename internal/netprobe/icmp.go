package netprobe

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	probing "github.com/prometheus-community/pro-bing"
)

// ICMPProber sends a single echo request to each endpoint host. Ports in the
// endpoint list are ignored.
type ICMPProber struct {
	Endpoints  []string
	Timeout    time.Duration
	Privileged bool
	Logger     *slog.Logger
}

var _ Prober = (*ICMPProber)(nil)

func (p *ICMPProber) Available(ctx context.Context) (bool, error) {
	return sequence(ctx, p.Logger, StrategyICMP, p.Endpoints, p.ping)
}

func (p *ICMPProber) ping(ctx context.Context, endpoint string) error {
	host, err := endpointHost(endpoint)
	if err != nil {
		return fmt.Errorf("%w: %v", errNotAttempted, err)
	}

	pinger, err := probing.NewPinger(host.String())
	if err != nil {
		return fmt.Errorf("%w: create pinger: %v", errNotAttempted, err)
	}
	pinger.Count = 1
	pinger.Timeout = p.Timeout
	pinger.SetPrivileged(p.Privileged)

	if err := pinger.RunWithContext(ctx); err != nil {
		// Socket setup failures mean the probe could not run at all.
		return fmt.Errorf("%w: %v", errNotAttempted, err)
	}

	if pinger.Statistics().PacketsRecv == 0 {
		return errors.New("no echo reply")
	}
	return nil
}

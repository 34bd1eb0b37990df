package netprobe

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/miekg/dns"
)

// DefaultQueryName is resolved by DNSProber when QueryName is empty.
const DefaultQueryName = "cache.nixos.org."

// DNSProber asks each endpoint, a DNS server, to resolve QueryName over TCP.
// Any well-formed answer counts as connectivity, including NXDOMAIN.
type DNSProber struct {
	Endpoints []string
	Timeout   time.Duration
	QueryName string
	Logger    *slog.Logger
}

var _ Prober = (*DNSProber)(nil)

func (p *DNSProber) Available(ctx context.Context) (bool, error) {
	return sequence(ctx, p.Logger, StrategyDNS, p.Endpoints, p.query)
}

func (p *DNSProber) query(ctx context.Context, endpoint string) error {
	addr, err := parseEndpoint(endpoint)
	if err != nil {
		return fmt.Errorf("%w: %v", errNotAttempted, err)
	}

	name := p.QueryName
	if name == "" {
		name = DefaultQueryName
	}

	msg := new(dns.Msg)
	msg.SetQuestion(dns.Fqdn(name), dns.TypeA)
	msg.RecursionDesired = true

	client := &dns.Client{Net: "tcp", Timeout: p.Timeout}

	ctx, cancel := context.WithTimeout(ctx, p.Timeout)
	defer cancel()

	resp, _, err := client.ExchangeContext(ctx, msg, addr.String())
	if err != nil {
		return err
	}
	if resp.Id != msg.Id {
		return fmt.Errorf("response id %d does not match query id %d", resp.Id, msg.Id)
	}
	return nil
}

// Package dnsx answers one question: does a domain exist in public DNS? Used
// by domain verification, which confirms ownership before a namespace is
// marked verified.
package dnsx

import (
	"context"
	"fmt"
	"time"

	"github.com/miekg/dns"
)

// ExchangeFunc performs one DNS query. Substituted in tests.
type ExchangeFunc func(ctx context.Context, msg *dns.Msg, server string) (*dns.Msg, error)

// Checker probes domains against a recursive resolver.
type Checker struct {
	server   string
	exchange ExchangeFunc
}

// New creates a checker against the given resolver ("host:port"). An empty
// server falls back to a public resolver.
func New(server string) *Checker {
	if server == "" {
		server = "9.9.9.9:53"
	}
	client := &dns.Client{Timeout: 5 * time.Second}
	return &Checker{
		server: server,
		exchange: func(ctx context.Context, msg *dns.Msg, srv string) (*dns.Msg, error) {
			resp, _, err := client.ExchangeContext(ctx, msg, srv)
			return resp, err
		},
	}
}

// NewWithExchange creates a checker with a custom exchange function.
func NewWithExchange(server string, exchange ExchangeFunc) *Checker {
	return &Checker{server: server, exchange: exchange}
}

// queryTypes are tried in order; any positive answer confirms the domain.
var queryTypes = []uint16{dns.TypeNS, dns.TypeA, dns.TypeMX}

// Exists reports whether the domain has any NS, A or MX records. NXDOMAIN
// across all types means the domain does not resolve; transport failures are
// errors, not negatives.
func (c *Checker) Exists(ctx context.Context, domain string) (bool, error) {
	fqdn := dns.Fqdn(domain)

	for _, qtype := range queryTypes {
		msg := new(dns.Msg)
		msg.SetQuestion(fqdn, qtype)
		msg.RecursionDesired = true

		resp, err := c.exchange(ctx, msg, c.server)
		if err != nil {
			return false, fmt.Errorf("query %s %s: %w", domain, dns.TypeToString[qtype], err)
		}
		if resp.Rcode == dns.RcodeNameError {
			return false, nil
		}
		if resp.Rcode != dns.RcodeSuccess {
			return false, fmt.Errorf("query %s %s: %s", domain, dns.TypeToString[qtype], dns.RcodeToString[resp.Rcode])
		}
		if len(resp.Answer) > 0 {
			return true, nil
		}
	}
	return false, nil
}

package quorum

import (
	"context"
	"fmt"
	"net"

	"github.com/miekg/dns"
)

// DNSSource resolves A records against one nameserver. Address records are
// checked rather than CNAMEs because a proxying provider answers a proxied
// CNAME with its own addresses. A truncated UDP answer is asked again over TCP.
type DNSSource struct {
	server string
	udp    *dns.Client
	tcp    *dns.Client
}

// NewDNSSource creates a source for a nameserver given as host or host:port
func NewDNSSource(server string) *DNSSource {
	if _, _, err := net.SplitHostPort(server); err != nil {
		server = net.JoinHostPort(server, "53")
	}
	return &DNSSource{server: server, udp: &dns.Client{Net: "udp"}, tcp: &dns.Client{Net: "tcp"}}
}

// Name returns the nameserver address
func (s *DNSSource) Name() string {
	return s.server
}

// Resolve returns the A records of fqdn
func (s *DNSSource) Resolve(ctx context.Context, fqdn string) ([]string, error) {
	msg := new(dns.Msg)
	msg.SetQuestion(dns.Fqdn(fqdn), dns.TypeA)
	msg.RecursionDesired = true

	resp, _, err := s.udp.ExchangeContext(ctx, msg, s.server)
	if err == nil && resp.Truncated {
		resp, _, err = s.tcp.ExchangeContext(ctx, msg, s.server)
	}
	if err != nil {
		return nil, fmt.Errorf("query %s for %s: %w", s.server, fqdn, err)
	}
	if resp.Rcode != dns.RcodeSuccess {
		return nil, fmt.Errorf("%s answered %s for %s", s.server, dns.RcodeToString[resp.Rcode], fqdn)
	}

	var answers []string
	for _, rr := range resp.Answer {
		if a, ok := rr.(*dns.A); ok {
			answers = append(answers, a.A.String())
		}
	}
	if len(answers) == 0 {
		return nil, fmt.Errorf("%s has no A records for %s", s.server, fqdn)
	}
	return answers, nil
}

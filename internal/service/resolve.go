package service

import (
	"fmt"
	"net"
	"net/netip"
	"time"

	"github.com/miekg/dns"
)

// DNSResolver resolves hostnames against the system resolver configuration
// with a bounded timeout. LookupAddr blocks for up to the timeout per
// exchange, so callers must stay off the worker loop goroutine; the server
// runs request parsing on a separate goroutine and re-enters the loop with
// the result.
type DNSResolver struct {
	client  *dns.Client
	servers []string
}

// NewDNSResolver reads /etc/resolv.conf. A missing or broken resolv.conf
// leaves literal addresses working and name lookups failing cleanly.
func NewDNSResolver(timeout time.Duration) *DNSResolver {
	r := &DNSResolver{
		client: &dns.Client{Timeout: timeout},
	}
	if cfg, err := dns.ClientConfigFromFile("/etc/resolv.conf"); err == nil {
		for _, s := range cfg.Servers {
			r.servers = append(r.servers, net.JoinHostPort(s, cfg.Port))
		}
	}
	return r
}

// LookupAddr resolves host to its first A (then AAAA) record.
func (r *DNSResolver) LookupAddr(host string) (netip.Addr, error) {
	if len(r.servers) == 0 {
		return netip.Addr{}, fmt.Errorf("service: no nameservers for %q", host)
	}
	for _, qtype := range []uint16{dns.TypeA, dns.TypeAAAA} {
		m := new(dns.Msg)
		m.SetQuestion(dns.Fqdn(host), qtype)
		for _, server := range r.servers {
			in, _, err := r.client.Exchange(m, server)
			if err != nil {
				continue
			}
			for _, rr := range in.Answer {
				switch a := rr.(type) {
				case *dns.A:
					if addr, ok := netip.AddrFromSlice(a.A.To4()); ok {
						return addr, nil
					}
				case *dns.AAAA:
					if addr, ok := netip.AddrFromSlice(a.AAAA); ok {
						return addr, nil
					}
				}
			}
		}
	}
	return netip.Addr{}, fmt.Errorf("service: no address for %q", host)
}

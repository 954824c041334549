// Package resolver provides DNS resolution for domain rule targets. It
// supports concurrent resolution of IPv4 and IPv6 addresses with retries and
// configurable timeouts, and keeps the two address families disjoint so
// callers can enforce v4 and v6 independently.
package resolver

import (
	"context"
	"crypto/rand"
	"fmt"
	"math/big"
	"net"
	"strings"
	"sync"
	"time"

	"github.com/miekg/dns"
	"go.uber.org/multierr"
	"golang.org/x/sync/errgroup"
)

var (
	// ErrNoRecords is returned when no DNS records are found for a hostname.
	ErrNoRecords = fmt.Errorf("no records found")
	// ErrEmptyMsg is returned when the DNS response message is empty.
	ErrEmptyMsg = fmt.Errorf("empty message")
	// ErrEmptyHostname is returned when an empty hostname is provided.
	ErrEmptyHostname = fmt.Errorf("empty hostname")
)

var _defaultResolver = "1.1.1.1:53"

var _ Clienter = (*Client)(nil)

// Result holds a resolution's addresses split by family. The two slices
// never overlap: an address appears in exactly one of them.
type Result struct {
	V4 []net.IP
	V6 []net.IP
}

// Empty reports whether both families are empty.
func (r Result) Empty() bool { return len(r.V4) == 0 && len(r.V6) == 0 }

// All returns every address across both families.
func (r Result) All() []net.IP {
	out := make([]net.IP, 0, len(r.V4)+len(r.V6))
	out = append(out, r.V4...)
	out = append(out, r.V6...)
	return out
}

// Clienter defines the interface for DNS resolution.
type Clienter interface {
	// LookupHost resolves a hostname to disjoint IPv4 and IPv6 address sets.
	LookupHost(ctx context.Context, hostname string) (Result, error)
}

// Exchanger defines the interface for DNS message exchange.
type Exchanger interface {
	ExchangeContext(ctx context.Context, m *dns.Msg, a string) (r *dns.Msg, rtt time.Duration, err error)
}

// Client implements Clienter.
type Client struct {
	Client    Exchanger
	Timeout   time.Duration
	Resolvers []string
	Retries   uint

	mu sync.Mutex
}

// Opt is a function option for configuring the Client.
type Opt func(r *Client)

// New creates a new Client with the given timeout and optional configurations.
func New(timeout time.Duration, opts ...Opt) *Client {
	res := &Client{
		Client: &dns.Client{
			Timeout: timeout,
		},
		Timeout: timeout,
	}

	for _, o := range opts {
		o(res)
	}

	return res
}

// WithResolvers returns an option to set custom DNS resolvers.
// If not provided, the default resolver (1.1.1.1:53) will be used.
func WithResolvers(resolvers []string) Opt {
	return func(r *Client) {
		r.Resolvers = resolvers
	}
}

// WithTimeout returns an option to set a custom timeout for DNS queries.
func WithTimeout(timeout time.Duration) Opt {
	return func(r *Client) {
		r.Timeout = timeout
	}
}

// WithRetries returns an option to set the per-query-type retry count.
func WithRetries(retries uint) Opt {
	return func(r *Client) {
		r.Retries = retries
	}
}

// LookupHost resolves a hostname into disjoint v4/v6 address sets.
// If the hostname is already a literal IP address, it is classified into
// the matching family and returned directly without a network round trip.
func (r *Client) LookupHost(ctx context.Context, hostname string) (Result, error) {
	if strings.TrimSpace(hostname) == "" {
		return Result{}, ErrEmptyHostname
	}

	if ip := net.ParseIP(hostname); ip != nil {
		if ip4 := ip.To4(); ip4 != nil {
			return Result{V4: []net.IP{ip4}}, nil
		}
		return Result{V6: []net.IP{ip}}, nil
	}

	ctx, cancel := context.WithTimeout(ctx, r.Timeout)
	defer cancel()

	return r.lookupIPs(ctx, hostname)
}

// lookupIPs resolves A and AAAA records concurrently and partitions the
// answers into disjoint families. It returns every address that succeeded,
// or an aggregated error if both queries fail.
func (r *Client) lookupIPs(ctx context.Context, host string) (Result, error) {
	grp, ctx := errgroup.WithContext(ctx)

	var (
		res  Result
		errs error
	)

	grp.Go(func() error {
		addrs, err := r.lookup(ctx, host, dns.TypeA)
		r.mu.Lock()
		defer r.mu.Unlock()
		if err != nil {
			errs = multierr.Append(errs, err)
			return nil
		}
		res.V4 = append(res.V4, addrs...)
		return nil
	})

	grp.Go(func() error {
		addrs, err := r.lookup(ctx, host, dns.TypeAAAA)
		r.mu.Lock()
		defer r.mu.Unlock()
		if err != nil {
			errs = multierr.Append(errs, err)
			return nil
		}
		res.V6 = append(res.V6, addrs...)
		return nil
	})

	if err := grp.Wait(); err != nil {
		errs = multierr.Append(errs, err)
	}

	if res.Empty() {
		return Result{}, fmt.Errorf("dns lookup for %q: %w", host, errs)
	}
	return res, nil
}

// lookup resolves qtype (A or AAAA) for host and returns the parsed IP
// answers. It retries r.Retries additional times before giving up.
func (r *Client) lookup(ctx context.Context, host string, qtype uint16) ([]net.IP, error) {
	var lastErr error
	for attempt := uint(0); attempt <= r.Retries; attempt++ {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		domain := dns.Fqdn(host)
		req := &dns.Msg{}
		req.SetQuestion(domain, qtype)

		resp, _, err := r.Client.ExchangeContext(ctx, req, r.getResolver())
		if err != nil {
			lastErr = err
			continue
		}
		if resp == nil {
			return nil, ErrEmptyMsg
		}

		ips, err := parseIPs(resp, qtype)
		if err != nil {
			lastErr = err
			continue
		}
		return ips, nil
	}

	if lastErr == nil {
		lastErr = fmt.Errorf("dns lookup failed for %q", host)
	}
	return nil, lastErr
}

// parseIPs extracts the address records matching qtype from resp.
func parseIPs(resp *dns.Msg, qtype uint16) ([]net.IP, error) {
	if resp == nil {
		return nil, ErrEmptyMsg
	}

	var ips []net.IP
	for _, rr := range resp.Answer {
		switch record := rr.(type) {
		case *dns.A:
			if qtype == dns.TypeA {
				ips = append(ips, record.A)
			}
		case *dns.AAAA:
			if qtype == dns.TypeAAAA {
				ips = append(ips, record.AAAA)
			}
		}
	}

	if len(ips) == 0 {
		return nil, ErrNoRecords
	}

	return ips, nil
}

// getResolver returns a random resolver from the list of resolvers.
func (r *Client) getResolver() string {
	if len(r.Resolvers) == 0 {
		return _defaultResolver
	}

	n, err := rand.Int(rand.Reader, big.NewInt(int64(len(r.Resolvers))))
	if err != nil {
		return r.Resolvers[0]
	}

	return r.Resolvers[n.Int64()]
}

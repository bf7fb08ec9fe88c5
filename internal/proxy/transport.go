// Package proxy forwards classified requests to selected upstreams. The
// Engine builds and dispatches one outbound attempt and relays the response;
// the Executor drives an ordered candidate list through the Engine with
// failover, recording every attempt for the routing decision.
package proxy

import (
	"context"
	"net"
	"net/http"
	"time"

	"github.com/rs/dnscache"

	"github.com/tollgatehq/tollgate/internal/netguard"
)

// NewTransport returns a tuned *http.Transport with connection pooling, DNS
// caching, and a dial-time address guard. The guard re-checks the literal IP
// actually dialed, closing the window between the per-attempt hostname
// validation and the connect.
func NewTransport(resolver *dnscache.Resolver, guard *netguard.Validator) *http.Transport {
	t := &http.Transport{
		MaxIdleConnsPerHost: 100,
		MaxConnsPerHost:     200,
		IdleConnTimeout:     90 * time.Second,
		ForceAttemptHTTP2:   true,
		TLSHandshakeTimeout: 5 * time.Second,
	}
	t.DialContext = func(ctx context.Context, network, addr string) (net.Conn, error) {
		host, port, err := net.SplitHostPort(addr)
		if err != nil {
			return nil, err
		}
		var d net.Dialer
		if resolver == nil {
			if guard != nil {
				if err := guard.CheckDialAddr(addr); err != nil {
					return nil, err
				}
			}
			return d.DialContext(ctx, network, addr)
		}
		ips, err := resolver.LookupHost(ctx, host)
		if err != nil {
			return nil, err
		}
		var lastErr error
		for _, ip := range ips {
			target := net.JoinHostPort(ip, port)
			if guard != nil {
				if err := guard.CheckDialAddr(target); err != nil {
					lastErr = err
					continue
				}
			}
			conn, err := d.DialContext(ctx, network, target)
			if err == nil {
				return conn, nil
			}
			lastErr = err
		}
		return nil, lastErr
	}
	return t
}

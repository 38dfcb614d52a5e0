package responder

import (
	"net"

	"github.com/benbjohnson/clock"
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"

	"github.com/joshuafuller/mdnscore/internal/errors"
	"github.com/joshuafuller/mdnscore/internal/message"
	"github.com/joshuafuller/mdnscore/internal/metrics"
	"github.com/joshuafuller/mdnscore/internal/transport"
)

// Option is a functional option for configuring a Responder. Options are
// applied by New before any socket is opened.
//
// Example:
//
//	resp, err := responder.New(ctx,
//	    responder.WithHostname("mydevice.local"),
//	    responder.WithInterfaces("eth0"),
//	)
type Option func(*Responder) error

// WithHostname sets the host name used for SRV targets and A/AAAA records.
// Without it the system host name with ".local" appended is used.
func WithHostname(hostname string) Option {
	return func(r *Responder) error {
		if err := message.ValidateHostname(hostname); err != nil {
			return err
		}
		r.hostname = hostname
		return nil
	}
}

// WithLogger sets the logger. The default discards everything.
func WithLogger(l *zap.Logger) Option {
	return func(r *Responder) error {
		if l == nil {
			return &errors.ValidationError{Field: "logger", Value: nil, Message: "cannot be nil"}
		}
		r.log = l
		return nil
	}
}

// WithMetrics registers the engine's Prometheus collectors with reg.
func WithMetrics(reg prometheus.Registerer) Option {
	return func(r *Responder) error {
		r.metrics = metrics.New(reg)
		return nil
	}
}

// WithInterfaces restricts mDNS to the named interfaces. By default every
// up, multicast-capable, non-loopback interface is used.
func WithInterfaces(names ...string) Option {
	return func(r *Responder) error {
		r.ifaceNames = append(r.ifaceNames, names...)
		return nil
	}
}

// WithIPv6 enables the IPv6 transport and AAAA records.
func WithIPv6(enabled bool) Option {
	return func(r *Responder) error {
		r.ipv6 = enabled
		return nil
	}
}

// WithAddresses advertises ips for the host name on every interface
// instead of the interfaces' own addresses.
func WithAddresses(ips ...net.IP) Option {
	return func(r *Responder) error {
		for _, ip := range ips {
			if ip == nil {
				return &errors.ValidationError{Field: "address", Value: ip, Message: "cannot be nil"}
			}
		}
		r.addresses = append(r.addresses, ips...)
		return nil
	}
}

// WithMaxCacheRecords bounds the record cache.
func WithMaxCacheRecords(n int) Option {
	return func(r *Responder) error {
		if n <= 0 {
			return &errors.ValidationError{Field: "max cache records", Value: n, Message: "must be positive"}
		}
		r.maxCache = n
		return nil
	}
}

func withClock(c clock.Clock) Option {
	return func(r *Responder) error {
		r.clock = c
		return nil
	}
}

// withTransports replaces the UDP transports, for tests.
func withTransports(ts ...transport.Transport) Option {
	return func(r *Responder) error {
		r.transports = append(r.transports, ts...)
		return nil
	}
}

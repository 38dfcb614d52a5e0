package querier

import (
	"time"

	"github.com/benbjohnson/clock"
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"

	"github.com/joshuafuller/mdnscore/internal/errors"
	"github.com/joshuafuller/mdnscore/internal/metrics"
	"github.com/joshuafuller/mdnscore/internal/transport"
)

// Option configures a Querier.
type Option func(*Querier) error

// WithTimeout sets how long Query collects answers when its context has no
// deadline. The default is one second.
func WithTimeout(d time.Duration) Option {
	return func(q *Querier) error {
		if d <= 0 {
			return &errors.ValidationError{Field: "timeout", Value: d, Message: "must be positive"}
		}
		q.timeout = d
		return nil
	}
}

// WithInterfaces restricts queries to the named interfaces.
func WithInterfaces(names ...string) Option {
	return func(q *Querier) error {
		q.ifaceNames = append(q.ifaceNames, names...)
		return nil
	}
}

// WithIPv6 enables the IPv6 transport.
func WithIPv6(enabled bool) Option {
	return func(q *Querier) error {
		q.ipv6 = enabled
		return nil
	}
}

// WithLogger sets the logger. The default discards everything.
func WithLogger(l *zap.Logger) Option {
	return func(q *Querier) error {
		if l == nil {
			return &errors.ValidationError{Field: "logger", Value: nil, Message: "cannot be nil"}
		}
		q.log = l
		return nil
	}
}

// WithMetrics registers the engine's Prometheus collectors with reg.
func WithMetrics(reg prometheus.Registerer) Option {
	return func(q *Querier) error {
		q.metrics = metrics.New(reg)
		return nil
	}
}

// WithMaxCacheRecords bounds the record cache.
func WithMaxCacheRecords(n int) Option {
	return func(q *Querier) error {
		if n <= 0 {
			return &errors.ValidationError{Field: "max cache records", Value: n, Message: "must be positive"}
		}
		q.maxCache = n
		return nil
	}
}

func withClock(c clock.Clock) Option {
	return func(q *Querier) error {
		q.clock = c
		return nil
	}
}

func withTransports(ts ...transport.Transport) Option {
	return func(q *Querier) error {
		q.transports = append(q.transports, ts...)
		return nil
	}
}

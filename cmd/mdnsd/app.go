package main

import (
	"context"
	"net"
	"net/http"
	"time"

	"github.com/miekg/dns"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/fx"
	"go.uber.org/multierr"
	"go.uber.org/zap"

	"github.com/joshuafuller/mdnscore/internal/config"
	"github.com/joshuafuller/mdnscore/responder"
)

// publisher is the part of *responder.Responder the daemon drives.
type publisher interface {
	Register(*responder.Service) error
	AddRecord(dns.RR, responder.RecordKind) error
	Close() error
}

// coreModule wires everything but the responder itself.
var coreModule = fx.Options(
	fx.Provide(
		newLogger,
		newRegistry,
		newMetricsServer,
	),
	fx.Invoke(publish, startMetricsServer),
)

// responderModule provides the multicast responder.
var responderModule = fx.Provide(newResponder)

func newLogger(cfg *config.Config) (*zap.Logger, error) {
	return cfg.BuildLogger()
}

func newRegistry() *prometheus.Registry {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return reg
}

func newResponder(lc fx.Lifecycle, cfg *config.Config, log *zap.Logger, reg *prometheus.Registry) (publisher, error) {
	opts := []responder.Option{
		responder.WithLogger(log),
		responder.WithMetrics(reg),
		responder.WithIPv6(cfg.IPv6),
		responder.WithMaxCacheRecords(cfg.Cache.MaxRecords),
	}
	if cfg.Hostname != "" {
		opts = append(opts, responder.WithHostname(cfg.Hostname))
	}
	if len(cfg.Interfaces) > 0 {
		opts = append(opts, responder.WithInterfaces(cfg.Interfaces...))
	}
	// The responder outlives OnStart's context.
	r, err := responder.New(context.Background(), opts...)
	if err != nil {
		return nil, err
	}
	lc.Append(fx.Hook{
		OnStop: func(context.Context) error { return r.Close() },
	})
	return r, nil
}

// publish advertises the configured records and services once the app has
// started. Services are registered in the background because probing each
// takes about a second.
func publish(lc fx.Lifecycle, cfg *config.Config, p publisher, log *zap.Logger) {
	done := make(chan struct{})
	lc.Append(fx.Hook{
		OnStart: func(context.Context) error {
			var errs error
			for i, rc := range cfg.Records {
				rr, err := rc.Parse()
				if err == nil {
					err = p.AddRecord(rr, recordKind(rc.Kind))
				}
				if err != nil {
					errs = multierr.Append(errs, err)
					log.Error("record not advertised", zap.Int("index", i), zap.String("rr", rc.RR), zap.Error(err))
				}
			}
			go func() {
				defer close(done)
				for _, sc := range cfg.Services {
					svc := &responder.Service{
						InstanceName: sc.Instance,
						ServiceType:  sc.Type,
						Port:         sc.Port,
						TXTRecords:   sc.TXT,
						Subtypes:     sc.Subtypes,
					}
					if err := p.Register(svc); err != nil {
						log.Error("service not registered", zap.String("instance", sc.Instance), zap.Error(err))
						continue
					}
					log.Info("service registered", zap.String("instance", svc.InstanceName), zap.String("type", svc.ServiceType))
				}
			}()
			return errs
		},
		OnStop: func(ctx context.Context) error {
			select {
			case <-done:
			case <-ctx.Done():
			}
			return nil
		},
	})
}

func recordKind(kind string) responder.RecordKind {
	switch kind {
	case config.KindUnique:
		return responder.UniqueRecord
	case config.KindKnownUnique:
		return responder.KnownUniqueRecord
	}
	return responder.SharedRecord
}

// metricsServer serves /metrics. A zero address leaves it disabled.
type metricsServer struct {
	srv  *http.Server
	addr string
	ln   net.Listener
	log  *zap.Logger
}

func newMetricsServer(cfg *config.Config, reg *prometheus.Registry, log *zap.Logger) *metricsServer {
	mux := http.NewServeMux()
	mux.Handle(cfg.Metrics.Path, promhttp.HandlerFor(reg, promhttp.HandlerOpts{Registry: reg}))
	return &metricsServer{
		srv:  &http.Server{Handler: mux, ReadHeaderTimeout: 5 * time.Second},
		addr: cfg.Metrics.Address,
		log:  log.Named("metrics"),
	}
}

// Addr returns the bound address, or nil before start or when disabled.
func (m *metricsServer) Addr() net.Addr {
	if m.ln == nil {
		return nil
	}
	return m.ln.Addr()
}

func startMetricsServer(lc fx.Lifecycle, m *metricsServer) {
	if m.addr == "" {
		return
	}
	lc.Append(fx.Hook{
		OnStart: func(context.Context) error {
			ln, err := net.Listen("tcp", m.addr)
			if err != nil {
				return err
			}
			m.ln = ln
			m.log.Info("serving metrics", zap.Stringer("addr", ln.Addr()))
			go func() {
				if err := m.srv.Serve(ln); err != nil && err != http.ErrServerClosed {
					m.log.Error("metrics server failed", zap.Error(err))
				}
			}()
			return nil
		},
		OnStop: func(ctx context.Context) error {
			return m.srv.Shutdown(ctx)
		},
	})
}

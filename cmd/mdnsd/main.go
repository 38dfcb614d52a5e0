// Command mdnsd advertises the records and DNS-SD services listed in its
// configuration file over Multicast DNS and serves Prometheus metrics.
//
// Usage:
//
//	mdnsd -config /etc/mdnsd.yaml
package main

import (
	"flag"
	"fmt"
	"os"

	"go.uber.org/fx"
	"go.uber.org/fx/fxevent"
	"go.uber.org/zap"

	"github.com/joshuafuller/mdnscore/internal/config"
)

func main() {
	path := flag.String("config", "", "path to the YAML configuration file")
	flag.Parse()

	cfg := config.DefaultConfig()
	if *path != "" {
		var err error
		if cfg, err = config.Load(*path); err != nil {
			fmt.Fprintln(os.Stderr, err)
			os.Exit(2)
		}
	}

	fx.New(
		fx.Supply(cfg),
		coreModule,
		responderModule,
		fx.WithLogger(func(log *zap.Logger) fxevent.Logger {
			return &fxevent.ZapLogger{Logger: log.Named("fx")}
		}),
	).Run()
}

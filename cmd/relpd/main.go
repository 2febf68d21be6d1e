// Copyright 2026 The Mellium Contributors.
// Use of this source code is governed by the BSD 2-clause
// license that can be found in the LICENSE file.

// The relpd command is a minimal RELP collector: it accepts RELP
// connections, prints every delivered message to standard output and,
// when the -metrics flag names an address, exposes Prometheus metrics.
package main

import (
	"context"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"

	"mellium.im/relp"
)

func main() {
	var (
		listen      = flag.String("listen", relp.DefaultPort, "port or host:port to accept RELP connections on")
		metricsAddr = flag.String("metrics", "", "address to serve Prometheus metrics on (empty disables)")
		debug       = flag.Bool("debug", false, "enable debug logging")
	)
	flag.Parse()

	log := logrus.New()
	if *debug {
		log.SetLevel(logrus.DebugLevel)
	}

	engine := relp.New()
	engine.SetLogger(log)
	engine.SetMetrics(relp.NewMetrics(prometheus.DefaultRegisterer))
	engine.SetHandler(relp.HandlerFunc(func(sess *relp.Session, msg []byte) error {
		_, err := fmt.Printf("%s %s\n", sess.RemoteAddr(), msg)
		return err
	}))

	if _, err := engine.AddListener(*listen); err != nil {
		log.WithError(err).Fatal("cannot bind RELP listener")
	}

	if *metricsAddr != "" {
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.Handler())
		go func() {
			if err := http.ListenAndServe(*metricsAddr, mux); err != nil {
				log.WithError(err).Error("metrics endpoint died")
			}
		}()
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	if err := engine.Run(ctx); err != nil && ctx.Err() == nil {
		log.WithError(err).Fatal("engine failed")
	}
}

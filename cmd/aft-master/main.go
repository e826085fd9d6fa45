package main

import (
	"context"
	"encoding/json"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"

	"github.com/simeonmiteff/aft/internal/master"
	"github.com/simeonmiteff/aft/pkg/config"
	"github.com/simeonmiteff/aft/pkg/host"
	"github.com/simeonmiteff/aft/pkg/metrics"
	"github.com/simeonmiteff/aft/pkg/transport"
)

// snapshotTimeout bounds how long a /debug/status request waits on the
// Run goroutine's request/response channel.
const snapshotTimeout = 2 * time.Second

func main() {
	cfg, err := config.ParseMaster(os.Args[1:])
	if err != nil {
		logrus.WithError(err).Fatal("aft-master: bad flags")
	}

	log := logrus.NewEntry(logrus.StandardLogger())

	listener, err := transport.ListenTCP(cfg.ListenAddr)
	if err != nil {
		log.WithError(err).Fatal("aft-master: listen")
	}
	log.WithField("addr", listener.Addr()).Info("aft-master: listening for children")

	spawner := host.NewExecSpawner(cfg.ChildBinary, log)
	connStats := transport.NewConnStatsCollector("aft")

	coord := master.New(master.Config{
		NodeCount:       cfg.NodeCount,
		Spawner:         spawner,
		Listener:        listener,
		ListenAddr:      listener.Addr(),
		FtClockInterval: cfg.FtClockInterval,
		FtTimeout:       cfg.FtTimeout,
		MaxForkAttempts: cfg.MaxForkAttempts,
		ConnStats:       connStats,
		Log:             log,
	})

	prometheus.MustRegister(metrics.NewCollector(coord, 0))
	prometheus.MustRegister(connStats)

	router := mux.NewRouter()
	router.Handle("/metrics", promhttp.Handler())
	router.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
	router.HandleFunc("/debug/status", func(w http.ResponseWriter, r *http.Request) {
		ctx, cancel := context.WithTimeout(r.Context(), snapshotTimeout)
		defer cancel()

		snap, err := coord.Snapshot(ctx)
		if err != nil {
			http.Error(w, err.Error(), http.StatusServiceUnavailable)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		if err := json.NewEncoder(w).Encode(snap); err != nil {
			log.WithError(err).Error("aft-master: encoding /debug/status response")
		}
	})
	httpServer := &http.Server{Addr: cfg.MetricsAddr, Handler: router}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	go func() {
		log.WithField("addr", cfg.MetricsAddr).Info("aft-master: serving metrics")
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.WithError(err).Error("aft-master: metrics server failed")
		}
	}()

	errCh := make(chan error, 1)
	go func() { errCh <- coord.Run(ctx) }()

	select {
	case <-ctx.Done():
		log.Info("aft-master: shutting down")
	case err := <-errCh:
		if err != nil {
			log.WithError(err).Error("aft-master: coordinator exited")
		}
	}

	_ = httpServer.Close()
	_ = listener.Close()
}

package main

import (
	"context"
	"errors"
	"expvar"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"herbtrace/internal/adapters/batches"
	"herbtrace/internal/adapters/qrcodes"
	"herbtrace/internal/core"
)

func newServeCmd(a *app) *cobra.Command {
	var addr string
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the HTTP API",
		Long: `Start the HTTP API server.

Routes:
  /api/v1/batches/...     batch registration, events, timelines and QR codes
  /api/v1/scan/decode     QR payload and image decoding
  /metrics                Prometheus metrics
  /debug/vars             expvar counters
  /healthz                liveness`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if addr != "" {
				a.cfg.Server.Addr = addr
			}
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return a.serve(ctx)
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "", "listen address (overrides server.addr)")
	return cmd
}

// serve runs the API until ctx ends, then drains in-flight requests and the
// QR worker within the shutdown timeout.
func (a *app) serve(ctx context.Context) (err error) {
	srv, worker, closeStack, err := a.buildServer(ctx)
	if err != nil {
		return err
	}
	defer func() {
		if cerr := closeStack(); err == nil {
			err = cerr
		}
	}()

	worker.Start()
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		a.logger.Info("listening", "addr", srv.Addr)
		if err := srv.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("listen %s: %w", srv.Addr, err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		a.logger.Info("shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), a.cfg.Server.ShutdownTimeout)
		defer cancel()
		return errors.Join(srv.Shutdown(shutdownCtx), worker.Stop(shutdownCtx))
	})
	return g.Wait()
}

// buildServer wires the service stack, QR pipeline and metrics into an
// http.Server. The returned function closes the stack.
func (a *app) buildServer(ctx context.Context) (*http.Server, *qrcodes.Worker, func() error, error) {
	publisher, err := a.openPublisher(ctx)
	if err != nil {
		return nil, nil, nil, err
	}
	worker := qrcodes.NewWorker(publisher,
		qrcodes.WithWorkerLogger(a.logger),
		qrcodes.WithQueueSize(a.cfg.QR.QueueSize),
	)

	reg := prometheus.NewRegistry()
	var opts []core.Option
	if a.cfg.Telemetry.Metrics {
		reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
		prom, err := core.NewPrometheusMetricsRecorder(reg)
		if err != nil {
			return nil, nil, nil, err
		}
		opts = append(opts, core.WithMetricsRecorder(core.MultiMetricsRecorder{
			prom,
			core.NewExpvarMetricsRecorder(""),
		}))
	}
	if a.cfg.QR.Prerender {
		opts = append(opts, core.WithRegistrationListener(worker.OnRegistered))
	}
	st, err := a.openStack(ctx, opts...)
	if err != nil {
		return nil, nil, nil, err
	}
	if a.cfg.Demo.Seed {
		if err := seedDemo(ctx, st.svc); err != nil {
			_ = st.Close()
			return nil, nil, nil, err
		}
	}

	api := batches.NewHandler(st.svc, publisher)
	api.Logger = a.logger
	mux := http.NewServeMux()
	mux.Handle("/api/v1/", api)
	mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
	mux.Handle("/debug/vars", expvar.Handler())
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok\n"))
	})
	srv := &http.Server{
		Addr:              a.cfg.Server.Addr,
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}
	return srv, worker, st.Close, nil
}

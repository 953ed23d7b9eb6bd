package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/cyberrange/cyris/pkg/log"
	"github.com/cyberrange/cyris/pkg/metrics"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run as a long-lived process for the reconcile loop and /metrics",
	Long: `serve keeps the orchestrator alive so its optional reconcile loop
and SSH pool sweeper actually run on a schedule, and exposes /metrics,
/health, /ready, and /live over HTTP for a Prometheus scrape and a
liveness/readiness probe. The one-shot range commands do not need this
— they work against the same on-disk registry directly.`,
	RunE: runServe,
}

func runServe(cmd *cobra.Command, args []string) error {
	o, err := newOrchestrator(cmd)
	if err != nil {
		return err
	}
	defer o.Stop()

	settings, err := loadSettings(cmd)
	if err != nil {
		return err
	}

	metrics.RegisterComponent("registry", true, "")
	metrics.RegisterComponent("libvirt", true, "")

	logger := log.WithComponent("serve")

	if settings.MetricsAddr != "" {
		mux := http.NewServeMux()
		mux.Handle("/metrics", metrics.Handler())
		mux.Handle("/health", metrics.HealthHandler())
		mux.Handle("/ready", metrics.ReadyHandler())
		mux.Handle("/live", metrics.LivenessHandler())

		server := &http.Server{Addr: settings.MetricsAddr, Handler: mux}
		go func() {
			logger.Info().Str("addr", settings.MetricsAddr).Msg("metrics server listening")
			if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				logger.Error().Err(err).Msg("metrics server exited")
			}
		}()
		defer server.Shutdown(context.Background())
	}

	logger.Info().Msg("cyris serving; reconcile loop and ssh pool sweeper active until signaled")

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	<-sig

	fmt.Println("shutting down")
	return nil
}

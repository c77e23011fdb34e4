package app

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"

	"github.com/lokisec/loki/pkg/logger"
	"github.com/lokisec/loki/pkg/server"
)

var serveFlags struct {
	listen          string
	upstream        string
	jwksURL         string
	dbPath          string
	disabledPlugins []string
	metricsListen   string
}

func newServeCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the Loki proxy in front of an OIDC provider",
		Long: `Starts the intercepting proxy. All OIDC endpoints are reverse-proxied to
the upstream provider; the admin surface lives under /loki.`,
		RunE: runServe,
	}

	cmd.Flags().StringVar(&serveFlags.listen, "listen", ":9090", "Address to listen on")
	cmd.Flags().StringVar(&serveFlags.upstream, "upstream", "", "Base URL of the upstream OIDC provider (required)")
	cmd.Flags().StringVar(&serveFlags.jwksURL, "jwks-url", "", "Upstream JWKS endpoint (default <upstream>/.well-known/jwks.json)")
	cmd.Flags().StringVar(&serveFlags.dbPath, "db", "loki-ledger.db", "SQLite ledger path")
	cmd.Flags().StringSliceVar(&serveFlags.disabledPlugins, "disable", nil, "Plugin ids to leave unregistered")
	cmd.Flags().StringVar(&serveFlags.metricsListen, "metrics-listen", "", "Optional address for the Prometheus /metrics endpoint")
	if err := cmd.MarkFlagRequired("upstream"); err != nil {
		logger.Errorf("Error marking upstream flag required: %v", err)
	}

	return cmd
}

func runServe(cmd *cobra.Command, _ []string) error {
	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	reg := prometheus.NewRegistry()
	srv, err := server.New(ctx, server.Config{
		UpstreamURL:     serveFlags.upstream,
		JWKSURL:         serveFlags.jwksURL,
		DBPath:          serveFlags.dbPath,
		DisabledPlugins: serveFlags.disabledPlugins,
	}, server.WithMetricsRegisterer(reg))
	if err != nil {
		return fmt.Errorf("assembling server: %w", err)
	}
	defer srv.Close()

	httpServer := &http.Server{
		Addr:              serveFlags.listen,
		Handler:           srv.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 2)
	go func() {
		logger.Infow("loki listening", "addr", serveFlags.listen, "upstream", serveFlags.upstream)
		errCh <- httpServer.ListenAndServe()
	}()

	var metricsServer *http.Server
	if serveFlags.metricsListen != "" {
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
		metricsServer = &http.Server{
			Addr:              serveFlags.metricsListen,
			Handler:           mux,
			ReadHeaderTimeout: 10 * time.Second,
		}
		go func() {
			logger.Infow("metrics listening", "addr", serveFlags.metricsListen)
			errCh <- metricsServer.ListenAndServe()
		}()
	}

	select {
	case <-ctx.Done():
		logger.Infof("shutting down")
	case err := <-errCh:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if metricsServer != nil {
		_ = metricsServer.Shutdown(shutdownCtx)
	}
	return httpServer.Shutdown(shutdownCtx)
}

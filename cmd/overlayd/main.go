// Command overlayd runs the two ends of the overlay and manages its topology.
//
//	overlayd intercept            local forward proxy that moves registered hosts onto the overlay
//	overlayd edge                 hosts upstream services for overlay clients
//	overlayd publish NAME ...     announces a service client config
//	overlayd unpublish NAME       withdraws it
package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"mini-overlay/config"
	"mini-overlay/logging"
	"mini-overlay/metrics"
	"mini-overlay/registry"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"
)

var (
	configPath string

	cfg       *config.Config
	log       zerolog.Logger
	logCloser io.Closer
)

var rootCmd = &cobra.Command{
	Use:           "overlayd",
	Short:         "HTTP interception onto an overlay transport",
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		var err error
		if cfg, err = config.Load(configPath); err != nil {
			return err
		}
		log, logCloser, err = logging.New(cfg.Log, nil)
		return err
	},
	PersistentPostRun: func(cmd *cobra.Command, args []string) {
		if logCloser != nil {
			logCloser.Close()
		}
	},
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "YAML config file (defaults apply when empty)")
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "overlayd:", err)
		os.Exit(1)
	}
}

func openEtcd() (*registry.EtcdRegistry, error) {
	return registry.NewEtcdRegistryWithOptions(registry.EtcdOptions{
		Endpoints:     cfg.Etcd.Endpoints,
		DialTimeout:   cfg.Etcd.DialTimeout,
		EdgePrefix:    cfg.Etcd.EdgePrefix,
		ServicePrefix: cfg.Etcd.ServicePrefix,
		Logger:        log,
	})
}

// signalContext is cancelled on SIGINT or SIGTERM.
func signalContext() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
}

// serveMetrics exposes m on cfg.Metrics.Listen until ctx is done.
func serveMetrics(ctx context.Context, m *metrics.Metrics) {
	if cfg.Metrics.Listen == "" {
		return
	}
	mux := http.NewServeMux()
	mux.Handle("/metrics", m.Handler())
	srv := &http.Server{Addr: cfg.Metrics.Listen, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		srv.Shutdown(shutdownCtx)
	}()
	go func() {
		log.Info().Str("addr", cfg.Metrics.Listen).Msg("metrics listening")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error().Err(err).Msg("metrics server failed")
		}
	}()
}

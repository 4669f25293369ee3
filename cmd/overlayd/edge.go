package main

import (
	"errors"
	"fmt"
	"mini-overlay/metrics"
	"mini-overlay/middleware"
	"mini-overlay/server"
	"time"

	"github.com/spf13/cobra"
)

var edgeServices map[string]string

var edgeCmd = &cobra.Command{
	Use:   "edge",
	Short: "Host upstream HTTP services for overlay clients",
	Long: `Run an overlay edge.

Every hosted service is registered in etcd under the edge's advertise address
with a TTL lease, so intercepting proxies discover it. Services come from the
edge.services config section and --service flags.

Examples:
  overlayd edge --service billing=http://127.0.0.1:9000
  overlayd edge -c overlayd.yaml`,
	Args: cobra.NoArgs,
	RunE: runEdge,
}

func init() {
	rootCmd.AddCommand(edgeCmd)
	edgeCmd.Flags().StringToStringVar(&edgeServices, "service", nil, "name=upstream URL, repeatable")
}

func runEdge(cmd *cobra.Command, args []string) error {
	ctx, stop := signalContext()
	defer stop()

	ec := cfg.Edge
	services := make(map[string]string, len(ec.Services)+len(edgeServices))
	for k, v := range ec.Services {
		services[k] = v
	}
	for k, v := range edgeServices {
		services[k] = v
	}
	if len(services) == 0 {
		return errors.New("edge: no services to host")
	}

	etcd, err := openEtcd()
	if err != nil {
		return err
	}
	defer etcd.Close()

	m := metrics.New()
	serveMetrics(ctx, m)

	svr := server.NewServer(server.Options{
		ChunkSize:       ec.ChunkSize,
		UpstreamTimeout: ec.UpstreamTimeout,
		LeaseTTL:        ec.LeaseTTL,
		Logger:          log,
		Metrics:         m,
	})
	for name, upstream := range services {
		if err := svr.Host(name, upstream); err != nil {
			return err
		}
	}
	svr.Use(middleware.LoggingMiddleware(log))
	if ec.Retries > 0 {
		svr.Use(middleware.RetryMiddleware(ec.Retries, 100*time.Millisecond, log))
	}

	errc := make(chan error, 1)
	go func() {
		errc <- svr.Serve("tcp", ec.Listen, ec.Advertise, etcd)
	}()
	log.Info().Str("addr", ec.Listen).Int("services", len(services)).Msg("edge listening")

	select {
	case err := <-errc:
		if err != nil {
			return fmt.Errorf("edge: %w", err)
		}
		return nil
	case <-ctx.Done():
	}
	log.Info().Msg("edge shutting down")
	return svr.Shutdown(10 * time.Second)
}

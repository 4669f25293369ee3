package main

import (
	"context"
	"errors"
	"fmt"
	"mini-overlay/intercept"
	"mini-overlay/registry"
	"mini-overlay/topology"
	"net"
	"os"
	"strconv"
	"time"

	"github.com/spf13/cobra"
)

var (
	publishURL     string
	publishTunnel  string
	publishHeaders map[string]string
	publishIdle    time.Duration
	publishFile    string
)

var publishCmd = &cobra.Command{
	Use:   "publish NAME",
	Short: "Announce a service client config in the topology",
	Long: `Announce how clients reach a service.

Exactly one of --url, --tunnel or --file is required.

Examples:
  overlayd publish billing --url https://billing.internal --header X-Token=t
  overlayd publish db --tunnel db.internal:5432
  overlayd publish web --file web-client.json`,
	Args: cobra.ExactArgs(1),
	RunE: runPublish,
}

var unpublishCmd = &cobra.Command{
	Use:   "unpublish NAME",
	Short: "Withdraw a service from the topology",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		etcd, err := openEtcd()
		if err != nil {
			return err
		}
		defer etcd.Close()

		ctx, cancel := context.WithTimeout(cmd.Context(), 10*time.Second)
		defer cancel()
		if err := etcd.Unpublish(ctx, args[0]); err != nil {
			if errors.Is(err, registry.ErrNotFound) {
				return fmt.Errorf("service %s is not published", args[0])
			}
			return err
		}
		log.Info().Str("service", args[0]).Msg("service unpublished")
		return nil
	},
}

func init() {
	rootCmd.AddCommand(publishCmd, unpublishCmd)
	publishCmd.Flags().StringVar(&publishURL, "url", "", "direct URL client: scheme://host[:port]")
	publishCmd.Flags().StringVar(&publishTunnel, "tunnel", "", "tunnel client: host:port")
	publishCmd.Flags().StringToStringVar(&publishHeaders, "header", nil, "static header name=value for --url, repeatable")
	publishCmd.Flags().DurationVar(&publishIdle, "idle-timeout", 0, "keep-alive budget for --url clients")
	publishCmd.Flags().StringVar(&publishFile, "file", "", "raw client config document")
	publishCmd.MarkFlagsMutuallyExclusive("url", "tunnel", "file")
	publishCmd.MarkFlagsOneRequired("url", "tunnel", "file")
}

func runPublish(cmd *cobra.Command, args []string) error {
	doc, err := clientConfig()
	if err != nil {
		return err
	}
	if topology.Decode(doc).Shape == topology.Unrecognized {
		return fmt.Errorf("config for %s would not be intercepted: %s", args[0], doc)
	}

	etcd, err := openEtcd()
	if err != nil {
		return err
	}
	defer etcd.Close()

	ctx, cancel := context.WithTimeout(cmd.Context(), 10*time.Second)
	defer cancel()
	if err := etcd.Publish(ctx, args[0], doc); err != nil {
		return err
	}
	log.Info().Str("service", args[0]).RawJSON("config", doc).Msg("service published")
	return nil
}

func clientConfig() ([]byte, error) {
	switch {
	case publishFile != "":
		return os.ReadFile(publishFile)
	case publishTunnel != "":
		host, port, err := splitPort(publishTunnel)
		if err != nil {
			return nil, err
		}
		return topology.TunnelClient{Hostname: host, Port: port}.Encode()
	default:
		key, err := intercept.ParseKey(publishURL)
		if err != nil {
			return nil, err
		}
		return topology.URLClient{
			Scheme:      key.Scheme,
			Hostname:    key.Host,
			Port:        key.Port,
			Headers:     publishHeaders,
			IdleTimeout: publishIdle,
		}.Encode()
	}
}

func splitPort(hostport string) (string, uint16, error) {
	host, p, err := net.SplitHostPort(hostport)
	if err != nil {
		return "", 0, err
	}
	port, err := strconv.ParseUint(p, 10, 16)
	if err != nil || port == 0 {
		return "", 0, fmt.Errorf("invalid port in %q", hostport)
	}
	return host, uint16(port), nil
}

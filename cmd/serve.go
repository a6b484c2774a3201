package cmd

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"

	"terastream/api"
)

var (
	listenAddr      string
	upstreamURL     string
	upstreamTimeout int
	proxyURL        string
	downloadPolicy  string
	rateLimit       string
	shutdownTimeout time.Duration
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the resolve and streaming HTTP server",
	Long: `Run the HTTP server.

Endpoints:
  GET     /resolve?id=<id>&format=json|stream|redirect
  HEAD    /resolve?id=<id>
  OPTIONS /resolve
  GET     /extract?url=<share-url>
  GET     /healthz

Examples:
  terastream serve
  terastream serve -l :9000 --policy auto
  terastream serve --proxy socks5://127.0.0.1:1080 -r 20M`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		server, err := api.NewServer(config)
		if err != nil {
			return err
		}

		ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		if !config.Quiet {
			fmt.Fprintf(os.Stderr, "🌐 Listening on %s\n", config.ListenAddr)
			fmt.Fprintf(os.Stderr, "🔗 Upstream: %s\n", config.UpstreamURL)
			fmt.Fprintf(os.Stderr, "📦 Policy: %s", config.DownloadPolicy)
			if threshold, err := config.RedirectThresholdBytes(); err == nil && config.DownloadPolicy == "auto" {
				fmt.Fprintf(os.Stderr, " (redirect above %s)", humanize.Bytes(uint64(threshold)))
			}
			fmt.Fprintln(os.Stderr)
			if limit, err := config.StreamRateLimitBytes(); err == nil && limit > 0 {
				fmt.Fprintf(os.Stderr, "🚦 Rate limit: %s/s\n", humanize.Bytes(uint64(limit)))
			}
		}

		return server.Run(ctx, shutdownTimeout)
	},
}

// applyCommandFlags copies subcommand flags that were set explicitly onto config
func applyCommandFlags(cmd *cobra.Command) error {
	flags := cmd.Flags()
	changed := func(name string) bool {
		return flags.Lookup(name) != nil && flags.Changed(name)
	}

	if changed("listen") {
		config.ListenAddr = listenAddr
	}
	if changed("upstream") {
		config.UpstreamURL = upstreamURL
	}
	if changed("upstream-timeout") {
		config.UpstreamTimeout = upstreamTimeout
	}
	if changed("proxy") {
		config.ProxyURL = proxyURL
	}
	if changed("policy") {
		config.DownloadPolicy = downloadPolicy
	}
	if changed("limit-rate") && cmd == serveCmd {
		config.StreamRateLimit = rateLimit
	}
	return nil
}

func addUpstreamFlags(cmd *cobra.Command) {
	cmd.Flags().StringVar(&upstreamURL, "upstream", "", "Helper API base URL (env: TERASTREAM_UPSTREAM_URL)")
	cmd.Flags().IntVar(&upstreamTimeout, "upstream-timeout", 0, "Helper API timeout in seconds (env: TERASTREAM_UPSTREAM_TIMEOUT)")
	cmd.Flags().StringVar(&proxyURL, "proxy", "", "HTTP/SOCKS5 proxy URL (env: TERASTREAM_PROXY)")
}

func init() {
	serveCmd.Flags().StringVarP(&listenAddr, "listen", "l", "", "Listen address (env: TERASTREAM_LISTEN_ADDR) (default :8080)")
	serveCmd.Flags().StringVar(&downloadPolicy, "policy", "", "Delivery without a format parameter: stream, redirect or auto (env: TERASTREAM_DOWNLOAD_POLICY)")
	serveCmd.Flags().StringVarP(&rateLimit, "limit-rate", "r", "", "Total streaming bandwidth cap, e.g. 20M (env: TERASTREAM_RATE_LIMIT)")
	serveCmd.Flags().DurationVar(&shutdownTimeout, "shutdown-timeout", 30*time.Second, "How long to wait for open streams on shutdown")
	addUpstreamFlags(serveCmd)
}

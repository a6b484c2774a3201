package cmd

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"

	"terastream/downloader"
	"terastream/internal"
	"terastream/utils"
)

var (
	serverURL      string
	outputPath     string
	fetchRateLimit string
)

var fetchCmd = &cobra.Command{
	Use:   "fetch <share-url|id>",
	Short: "Download a file through a running terastream server",
	Long: `Download a file through a running terastream server.

Partial downloads are kept as <output>.part next to a .terastream.json
sidecar and are continued with a range request when the command is run again.

Examples:
  terastream fetch https://www.terabox.com/s/1AbCdEf123
  terastream fetch -s http://media.lan:8080 -o ~/Downloads/ AbCdEf123
  terastream fetch -r 2M -o movie.mkv https://www.terabox.com/s/1AbCdEf123`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		var rateLimitBytes int64
		if fetchRateLimit != "" {
			n, err := utils.ParseRateLimit(fetchRateLimit)
			if err != nil {
				if validationErr, ok := err.(*internal.ValidationError); ok {
					internal.LogValidationError(validationErr)
				}
				return fmt.Errorf("invalid rate limit format: %w\n\nSupported formats:\n  - 1M (1 MB/s)\n  - 500K (500 KB/s)\n  - 1MiB (1 MiB/s)", err)
			}
			rateLimitBytes = n
		}

		ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		if !config.Quiet {
			fmt.Fprintf(os.Stderr, "📥 Fetching %s via %s\n", args[0], serverURL)
			if rateLimitBytes > 0 {
				fmt.Fprintf(os.Stderr, "🚦 Rate limit: %s/s\n", humanize.Bytes(uint64(rateLimitBytes)))
			}
		}

		engine := downloader.NewFetchEngine(utils.NewUpstreamClient(config), utils.NewFileOperations(nil))
		result, err := engine.Fetch(ctx, args[0], &internal.FetchConfig{
			ServerURL:  serverURL,
			OutputPath: outputPath,
			RateLimit:  rateLimitBytes,
			Quiet:      config.Quiet,
		})
		if err != nil {
			if errors.Is(ctx.Err(), context.Canceled) {
				if !config.Quiet {
					fmt.Fprintf(os.Stderr, "\n⏸️  Download interrupted. Run the same command again to resume.\n")
				}
				return fmt.Errorf("download cancelled by user")
			}
			if upstreamErr, ok := internal.AsUpstreamError(err); ok {
				internal.LogUpstreamError(upstreamErr)
			}
			return err
		}

		internal.LogInfo("Saved %s (%s)", result.OutputPath, humanize.IBytes(uint64(result.File.Size)))
		if !config.Quiet {
			if result.Resumed {
				fmt.Fprintf(os.Stderr, "🔄 Continued a previous partial download\n")
			}
			fmt.Fprintf(os.Stderr, "✅ Saved to %s\n", result.OutputPath)
		}
		return nil
	},
}

func init() {
	fetchCmd.Flags().StringVarP(&serverURL, "server", "s", internal.GetEnvWithDefault("TERASTREAM_SERVER", "http://localhost:8080"), "terastream server URL (env: TERASTREAM_SERVER)")
	fetchCmd.Flags().StringVarP(&outputPath, "output", "o", "", "Output file or directory (default: the shared file's name)")
	fetchCmd.Flags().StringVarP(&fetchRateLimit, "limit-rate", "r", "", "Bandwidth limit, e.g. 5M")
	fetchCmd.Flags().StringVar(&proxyURL, "proxy", "", "HTTP/SOCKS5 proxy URL (env: TERASTREAM_PROXY)")
}

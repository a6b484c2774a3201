package cmd

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/bytedance/sonic"
	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"

	"terastream/downloader"
	"terastream/internal"
	"terastream/utils"
)

// resolveOutput is what `terastream resolve` prints
type resolveOutput struct {
	ID          string `json:"id"`
	ShareURL    string `json:"shareUrl"`
	DownloadURL string `json:"downloadUrl"`
	FileName    string `json:"fileName"`
	FileSize    int64  `json:"fileSize"`
	MD5         string `json:"md5,omitempty"`
	Thumbnail   string `json:"thumbnail,omitempty"`
}

var resolveCmd = &cobra.Command{
	Use:   "resolve <share-url|id>",
	Short: "Resolve a share link to a direct download link",
	Long: `Resolve a share link in-process and print the download link and file
metadata as JSON. No server is needed.

Examples:
  terastream resolve https://www.terabox.com/s/1AbCdEf123
  terastream resolve AbCdEf123 | jq -r .downloadUrl`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		id, err := utils.ShareIDFromInput(args[0])
		if err != nil {
			return err
		}
		if info, err := utils.NewURLValidator().ParseURL(args[0]); err == nil && !info.KnownHost {
			internal.LogWarn("%s is not a known share host, resolving anyway", info.Domain)
		}

		ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		cache := downloader.NewResolutionCache(config.CacheTTLDuration(), 0, 1)
		resolver := downloader.NewResolver(utils.NewUpstreamClient(config), cache, downloader.ResolverConfig{
			BaseURL: config.UpstreamURL,
			Timeout: config.UpstreamTimeoutDuration(),
		})

		link, meta, err := resolver.Resolve(ctx, id)
		if err != nil {
			return err
		}

		out, err := sonic.ConfigStd.MarshalIndent(resolveOutput{
			ID:          id,
			ShareURL:    utils.ShareURL(id),
			DownloadURL: link,
			FileName:    meta.Filename,
			FileSize:    meta.Size,
			MD5:         meta.Checksum,
			Thumbnail:   meta.Thumbnail,
		}, "", "  ")
		if err != nil {
			return fmt.Errorf("failed to encode result: %w", err)
		}

		if !config.Quiet {
			fmt.Fprintf(os.Stderr, "📄 %s (%s)\n", meta.Filename, humanize.IBytes(uint64(meta.Size)))
		}
		fmt.Fprintln(cmd.OutOrStdout(), string(out))
		return nil
	},
}

func init() {
	addUpstreamFlags(resolveCmd)
}

package cmd

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"terastream/internal"
)

var (
	configPath string
	envFile    string
	debug      bool
	quiet      bool
	logLevel   string
	logFile    string
	config     *internal.Config
)

var rootCmd = &cobra.Command{
	Use:     "terastream",
	Short:   "Resolve Terabox share links and stream the files behind them",
	Version: "v1.0.0",
	Long: `terastream turns a Terabox share link into a direct download link and
proxies the file bytes, with range support, to browsers and media players.

Examples:
  terastream serve --listen :8080
  terastream resolve https://www.terabox.com/s/1AbCdEf123
  terastream fetch -o ~/Downloads/ https://www.terabox.com/s/1AbCdEf123

Environment Variables:
  TERASTREAM_LISTEN_ADDR        Address the server listens on
  TERASTREAM_UPSTREAM_URL       Helper API base URL
  TERASTREAM_UPSTREAM_TIMEOUT   Helper API timeout in seconds
  TERASTREAM_PROXY              HTTP/SOCKS5 proxy for upstream calls
  TERASTREAM_CACHE_TTL          Resolution cache lifetime in seconds
  TERASTREAM_DOWNLOAD_POLICY    stream, redirect or auto
  TERASTREAM_RATE_LIMIT         Total streaming bandwidth cap (e.g. 5M)
  TERASTREAM_LOG_LEVEL          debug, info, warn or error

DISCLAIMER: Respect Terabox's Terms of Service and copyright laws.`,
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		if err := loadConfiguration(cmd); err != nil {
			return fmt.Errorf("configuration error: %w", err)
		}

		if err := internal.InitLogger(config); err != nil {
			return fmt.Errorf("failed to initialize logger: %w", err)
		}

		internal.LogDebug("Configuration loaded: upstream=%s, policy=%s, cache_ttl=%ds, debug=%v, quiet=%v",
			config.UpstreamURL, config.DownloadPolicy, config.CacheTTL, config.Debug, config.Quiet)
		return nil
	},
}

// loadConfiguration layers defaults, the config file, .env, the environment
// and finally any flags set on the command line.
func loadConfiguration(cmd *cobra.Command) error {
	loaded, err := internal.LoadConfig(configPath, envFile)
	if err != nil {
		return err
	}
	config = loaded

	flags := cmd.Flags()
	if flags.Changed("debug") {
		config.Debug = debug
		if debug {
			config.LogLevel = "debug"
		}
	}
	if flags.Changed("quiet") {
		config.Quiet = quiet
	}
	if flags.Changed("log-level") {
		config.LogLevel = logLevel
	}
	if flags.Changed("log-file") {
		config.LogFile = logFile
	}

	if err := applyCommandFlags(cmd); err != nil {
		return err
	}

	if err := config.ValidateConfig(); err != nil {
		if validationErr, ok := err.(*internal.ValidationError); ok {
			return fmt.Errorf("%s", validationErr.DetailedError())
		}
		return err
	}
	return nil
}

func init() {
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "", "Path to a YAML config file")
	rootCmd.PersistentFlags().StringVar(&envFile, "env-file", ".env", "Path to a .env file (ignored when missing)")
	rootCmd.PersistentFlags().BoolVarP(&debug, "debug", "d", false, "Enable debug logging with file and line information (env: TERASTREAM_DEBUG)")
	rootCmd.PersistentFlags().BoolVarP(&quiet, "quiet", "q", false, "Only log errors and hide progress output (env: TERASTREAM_QUIET)")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "", "Set log level (debug, info, warn, error) (env: TERASTREAM_LOG_LEVEL)")
	rootCmd.PersistentFlags().StringVar(&logFile, "log-file", "", "Write logs to file instead of stderr (env: TERASTREAM_LOG_FILE)")

	rootCmd.AddCommand(serveCmd, resolveCmd, fetchCmd)
}

// Execute runs the root command
func Execute() error {
	err := rootCmd.Execute()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
	}
	return err
}

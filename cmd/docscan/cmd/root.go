// Package cmd holds the docscan command tree.
package cmd

import (
	"fmt"
	"log/slog"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/MeKo-Tech/docscan/internal/config"
)

// app carries the configuration shared by all subcommands.
type app struct {
	cfgFile string
	loader  *config.Loader
	cfg     *config.Config
}

// NewRootCmd builds the docscan command tree.
func NewRootCmd() *cobra.Command {
	a := &app{loader: config.NewLoaderWithViper(viper.New())}

	cmd := &cobra.Command{
		Use:   "docscan",
		Short: "Document scanning workbench",
		Long: `docscan captures or imports document images, finds the sheet of paper
in each photo, crops and straightens it, and exports the pages as PDF or TIFF.

It runs as an HTTP/WebSocket service for interactive clients, or headless
over a set of files.

Examples:
  docscan serve --port 8080
  docscan scan photos/ --filter grayscale --output letter.pdf
  docscan config init`,
		SilenceUsage:      true,
		PersistentPreRunE: a.setup,
	}

	flags := cmd.PersistentFlags()
	flags.StringVar(&a.cfgFile, "config", "", "config file (default is search in ., $HOME, $HOME/.config/docscan, /etc/docscan)")
	flags.BoolP("verbose", "v", false, "verbose output (equivalent to --log-level=debug)")
	flags.String("log-level", "info", "log level (debug, info, warn, error)")
	flags.String("storage-dir", "", "directory for pages, uploads and exports")

	v := a.loader.Viper()
	_ = v.BindPFlag("verbose", flags.Lookup("verbose"))
	_ = v.BindPFlag("log_level", flags.Lookup("log-level"))
	_ = v.BindPFlag("storage.dir", flags.Lookup("storage-dir"))

	cmd.AddCommand(newServeCmd(a), newScanCmd(a), newConfigCmd(a))
	return cmd
}

// setup loads .env and the configuration, then installs the logger.
func (a *app) setup(cmd *cobra.Command, _ []string) error {
	// A missing .env file is fine.
	_ = godotenv.Load()

	var err error
	a.cfg, err = a.loader.LoadWithFile(a.cfgFile)
	if err != nil {
		return fmt.Errorf("loading configuration: %w", err)
	}

	level := slog.LevelInfo
	if a.cfg.Verbose {
		level = slog.LevelDebug
	} else if err := level.UnmarshalText([]byte(a.cfg.LogLevel)); err != nil {
		level = slog.LevelInfo
	}

	// scan prints results on stdout, so its logs go to stderr.
	out := cmd.ErrOrStderr()
	if cmd.Name() == "serve" {
		out = cmd.OutOrStdout()
	}
	slog.SetDefault(slog.New(slog.NewJSONHandler(out, &slog.HandlerOptions{Level: level})))
	return nil
}

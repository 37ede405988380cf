// Package commands implements the readahead CLI.
package commands

import (
	"io"
	"log/slog"

	"github.com/spf13/cobra"

	"github.com/meigma/readahead/internal/config"
	"github.com/meigma/readahead/internal/logging"
)

// Version information injected at build time.
var (
	Version = "dev"
	Commit  = "none"
	Date    = "unknown"
)

// app carries state shared by subcommands once flags are parsed.
type app struct {
	cfgFile   string
	cfg       config.Config
	logger    *slog.Logger
	logCloser io.Closer
}

// NewRootCmd builds the command tree.
func NewRootCmd() *cobra.Command {
	a := &app{}

	root := &cobra.Command{
		Use:   "readahead",
		Short: "Prefetch byte ranges of files and URLs into a block cache",
		Long: `readahead reads a local file or HTTP(S) URL through the read-ahead engine.

Blocks are fetched in the background by a single worker, optionally persisted
in a block cache, and streamed to the output in order.

Configuration is read from --config, then READAHEAD_* environment variables
(e.g. READAHEAD_CACHE_DIR), then flags.`,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			return a.init(cmd)
		},
		PersistentPostRunE: func(*cobra.Command, []string) error {
			if a.logCloser != nil {
				return a.logCloser.Close()
			}
			return nil
		},
	}
	root.CompletionOptions.DisableDefaultCmd = true

	pf := root.PersistentFlags()
	pf.StringVar(&a.cfgFile, "config", "", "config file (yaml, toml or json)")
	pf.String("log-level", "", "log level (debug|info|warn|error)")
	pf.String("log-format", "", "log format (text|json)")
	pf.String("log-file", "", "write logs to a rotated file instead of stderr")
	pf.String("cache-dir", "", "block cache directory (empty disables caching)")
	pf.String("cache-backend", "", "block cache backend (disk|badger)")

	root.AddCommand(newReadCmd(a))
	root.AddCommand(newCacheCmd(a))
	root.AddCommand(newVersionCmd())
	return root
}

// init loads configuration and builds the logger.
func (a *app) init(cmd *cobra.Command) error {
	cfg, err := config.Load(a.cfgFile, cmd.Flags())
	if err != nil {
		return err
	}
	logger, closer, err := logging.New(logging.Config{
		Level:  cfg.Log.Level,
		Format: cfg.Log.Format,
		File:   cfg.Log.File,
	}, cmd.ErrOrStderr())
	if err != nil {
		return err
	}
	a.cfg = cfg
	a.logger = logger
	a.logCloser = closer
	return nil
}

// Execute runs the CLI.
func Execute() error {
	return NewRootCmd().Execute()
}

package commands

import (
	"errors"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/meigma/readahead/cache/badger"
	"github.com/meigma/readahead/cache/disk"
	"github.com/meigma/readahead/internal/config"
)

// sizer is implemented by every cache backend.
type sizer interface {
	SizeBytes() (int64, error)
	Close() error
}

func newCacheCmd(a *app) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "cache",
		Short: "Inspect and bound the block cache",
		Long: `Inspect and bound the block cache.

The engine never evicts cache entries; use "cache prune" to keep the
directory within a size budget.`,
	}
	cmd.AddCommand(newCacheSizeCmd(a))
	cmd.AddCommand(newCachePruneCmd(a))
	return cmd
}

func newCacheSizeCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "size",
		Short: "Print the cache size in bytes",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			c, err := a.openCache()
			if err != nil {
				return err
			}
			defer func() { _ = c.Close() }()

			size, err := c.SizeBytes()
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%d\t%s\n", size, a.cfg.Cache.Dir)
			return nil
		},
	}
}

func newCachePruneCmd(a *app) *cobra.Command {
	var target int64
	cmd := &cobra.Command{
		Use:   "prune",
		Short: "Remove the oldest entries until the cache fits --target bytes",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if target < 0 {
				return fmt.Errorf("--target must be >= 0, got %d", target)
			}
			if a.cfg.Cache.Backend != config.BackendDisk {
				return fmt.Errorf("prune is not supported for the %s backend", a.cfg.Cache.Backend)
			}
			c, err := a.openCache()
			if err != nil {
				return err
			}
			defer func() { _ = c.Close() }()

			freed, err := c.(*disk.Cache).Prune(target)
			if err != nil {
				return err
			}
			a.logger.Info("cache pruned", "dir", a.cfg.Cache.Dir, "freed_bytes", freed, "target_bytes", target)
			fmt.Fprintf(cmd.OutOrStdout(), "freed %d bytes\n", freed)
			return nil
		},
	}
	cmd.Flags().Int64Var(&target, "target", 0, "size budget in bytes")
	return cmd
}

func (a *app) openCache() (sizer, error) {
	dir := a.cfg.Cache.Dir
	if dir == "" {
		return nil, errors.New("no cache directory configured (set --cache-dir or cache.dir)")
	}
	switch a.cfg.Cache.Backend {
	case config.BackendBadger:
		return badger.Open(dir, badger.WithLogger(a.logger))
	default:
		return disk.New(dir, disk.WithLogger(a.logger))
	}
}

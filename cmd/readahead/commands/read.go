package commands

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/meigma/readahead"
	"github.com/meigma/readahead/cache/badger"
	rahttp "github.com/meigma/readahead/http"
	"github.com/meigma/readahead/internal/config"
	rametrics "github.com/meigma/readahead/metrics/prometheus"
	"github.com/meigma/readahead/origin"
)

const (
	httpRequestTimeout = 30 * time.Second
	shutdownTimeout    = 10 * time.Second
)

type readOptions struct {
	output string
	watch  bool
}

func newReadCmd(a *app) *cobra.Command {
	opts := &readOptions{}
	cmd := &cobra.Command{
		Use:   "read <path|url>",
		Short: "Read a file or URL through the prefetch engine",
		Long: `Read a local file or HTTP(S) URL through the prefetch engine.

The whole source is split into blocks that are submitted up front; the
worker fetches them in order while the command streams them to the output.

Examples:
  # Warm the block cache for a remote file
  readahead read https://example.com/data.root --cache-dir /var/cache/readahead -o /dev/null

  # Copy a file, re-reading it whenever it changes
  readahead read ./events.root --watch -o copy.root`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runRead(cmd, a, opts, args[0])
		},
	}

	f := cmd.Flags()
	f.StringVarP(&opts.output, "output", "o", "-", `output file ("-" for stdout)`)
	f.BoolVar(&opts.watch, "watch", false, "re-read the file when it changes (local files only)")
	f.Int("block-size", 0, "block size in bytes")
	f.Duration("wait-budget", 0, "max time to wait for a queued block before reading the origin directly (0 waits)")
	f.Bool("cache-compress", false, "zstd-compress disk cache entries")
	f.String("metrics-addr", "", "serve Prometheus metrics on this address (e.g. :9102)")
	return cmd
}

func runRead(cmd *cobra.Command, a *app, opts *readOptions, target string) error {
	remote := isURL(target)
	if opts.watch && remote {
		return errors.New("--watch requires a local file")
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	src, closeSrc, err := openOrigin(target)
	if err != nil {
		return err
	}
	defer func() { _ = closeSrc() }()

	reg := prometheus.NewRegistry()
	engineOpts := []readahead.Option{
		readahead.WithLogger(a.logger),
		readahead.WithMetrics(rametrics.New(reg)),
		readahead.WithWaitBudget(a.cfg.Read.WaitBudget),
	}
	cacheOpts, closeCache, err := cacheOptions(a.cfg.Cache, a.logger)
	if err != nil {
		return err
	}
	defer func() { _ = closeCache() }()
	engineOpts = append(engineOpts, cacheOpts...)

	e, err := readahead.New(src, engineOpts...)
	if err != nil {
		return err
	}
	defer func() { _ = e.Close() }()
	if err := e.Start(); err != nil {
		return err
	}

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	g, gctx := errgroup.WithContext(runCtx)

	if addr := a.cfg.Metrics.Addr; addr != "" {
		g.Go(func() error {
			return serveMetrics(gctx, addr, reg, a.logger)
		})
	}

	changes := make(chan struct{}, 1)
	if opts.watch {
		g.Go(func() error {
			return origin.Watch(gctx, target, func() {
				select {
				case changes <- struct{}{}:
				default:
				}
			})
		})
	}

	r := &reader{
		engine:    e,
		blockSize: a.cfg.Read.BlockSize,
		output:    opts.output,
		stdout:    cmd.OutOrStdout(),
		logger:    a.logger,
	}
	g.Go(func() error {
		defer cancel()
		if err := r.copyOnce(gctx, src.Size()); err != nil {
			return err
		}
		if !opts.watch {
			return nil
		}
		return r.follow(gctx, target, changes, &closeSrc)
	})

	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}

	stopCtx, stopCancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer stopCancel()
	return e.Stop(stopCtx)
}

// reader streams an origin through the engine to an output.
type reader struct {
	engine    *readahead.Engine
	blockSize int
	output    string
	stdout    io.Writer
	logger    *slog.Logger
}

func (r *reader) copyOnce(ctx context.Context, size int64) error {
	w, closeOut, err := r.openOutput()
	if err != nil {
		return err
	}
	defer func() { _ = closeOut() }()

	start := time.Now()
	ranges := readahead.Split(0, size, r.blockSize)
	if err := r.engine.Submit(ranges); err != nil {
		return err
	}

	buf := make([]byte, r.blockSize)
	for _, rng := range ranges {
		p := buf[:rng.Length]
		if err := r.engine.ReadBuffer(ctx, p, rng.Offset); err != nil {
			return fmt.Errorf("read %s: %w", rng, err)
		}
		if _, err := w.Write(p); err != nil {
			return fmt.Errorf("write output: %w", err)
		}
	}
	if err := closeOut(); err != nil {
		return fmt.Errorf("close output: %w", err)
	}
	closeOut = func() error { return nil }

	st := r.engine.Stats()
	r.logger.Info("read complete",
		"bytes", size,
		"blocks", len(ranges),
		"duration", time.Since(start),
		"cache_hits", st.CacheHits,
		"cache_misses", st.CacheMisses,
		"origin_reads", st.OriginReads,
		"fallback_reads", st.FallbackReads,
		"wait_time", st.WaitTime,
	)
	return nil
}

// follow re-reads path each time it changes until ctx is done.
func (r *reader) follow(ctx context.Context, path string, changes <-chan struct{}, closeSrc *func() error) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-changes:
		}

		f, err := origin.Open(path)
		if err != nil {
			r.logger.Warn("cannot reopen changed file", "path", path, "error", err)
			continue
		}
		if err := r.engine.SetOrigin(ctx, f); err != nil {
			_ = f.Close()
			return err
		}
		_ = (*closeSrc)()
		*closeSrc = f.Close

		if err := r.copyOnce(ctx, f.Size()); err != nil {
			if errors.Is(err, readahead.ErrOriginChanged) {
				continue
			}
			return err
		}
	}
}

func (r *reader) openOutput() (io.Writer, func() error, error) {
	if r.output == "" || r.output == "-" {
		return r.stdout, func() error { return nil }, nil
	}
	f, err := os.Create(r.output)
	if err != nil {
		return nil, nil, fmt.Errorf("create output: %w", err)
	}
	return f, f.Close, nil
}

func isURL(s string) bool {
	return strings.HasPrefix(s, "http://") || strings.HasPrefix(s, "https://")
}

func openOrigin(target string) (origin.Origin, func() error, error) {
	if isURL(target) {
		src, err := rahttp.Open(target,
			rahttp.WithConditionalHeaders(),
			rahttp.WithRequestTimeout(httpRequestTimeout),
		)
		if err != nil {
			return nil, nil, err
		}
		return src, func() error { return nil }, nil
	}
	f, err := origin.Open(target)
	if err != nil {
		return nil, nil, err
	}
	return f, f.Close, nil
}

// cacheOptions returns the engine options for the configured cache backend.
func cacheOptions(cfg config.CacheConfig, logger *slog.Logger) ([]readahead.Option, func() error, error) {
	noop := func() error { return nil }
	if cfg.Dir == "" {
		return nil, noop, nil
	}

	switch cfg.Backend {
	case config.BackendBadger:
		c, err := badger.Open(cfg.Dir, badger.WithLogger(logger))
		if err != nil {
			logger.Warn("block cache disabled", "dir", cfg.Dir, "error", err)
			return nil, noop, nil
		}
		return []readahead.Option{readahead.WithCache(c)}, c.Close, nil
	default:
		return []readahead.Option{
			readahead.WithCacheCompression(cfg.Compress),
			readahead.WithCacheDir(cfg.Dir),
		}, noop, nil
	}
}

func serveMetrics(ctx context.Context, addr string, reg *prometheus.Registry, logger *slog.Logger) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
	srv := &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.ListenAndServe()
	}()
	logger.Info("metrics server listening", "addr", addr)

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return fmt.Errorf("metrics server: %w", err)
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	}
}

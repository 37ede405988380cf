// Command profiler drives the prefetch engine with synthetic workloads and
// records CPU, heap, trace and wall-clock profiles.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log"
	"log/slog"
	"math/rand" //nolint:gosec // intentional use for reproducible benchmarks
	"net/http"
	_ "net/http/pprof" //nolint:gosec // intentional profiling endpoint
	"os"
	"path/filepath"
	"runtime"
	"runtime/pprof"
	"runtime/trace"
	"time"

	"github.com/felixge/fgprof"

	"github.com/meigma/readahead"
	"github.com/meigma/readahead/cache"
	"github.com/meigma/readahead/cache/badger"
	"github.com/meigma/readahead/cache/disk"
	"github.com/meigma/readahead/internal/logging"
	"github.com/meigma/readahead/origin"
)

const cacheNone = "none"

type config struct {
	mode            string
	size            int64
	blockSize       int
	readSize        int
	pattern         string
	dataURL         string
	originLatency   time.Duration
	originBandwidth int64
	waitBudget      time.Duration
	fgProfile       string
	duration        time.Duration
	iterations      int
	pprofAddr       string
	cpuProfile      string
	memProfile      string
	traceFile       string
	cache           string
	cacheDir        string
	compress        bool
	cold            bool
	tempDir         string
	keepTemp        bool
	randomSeed      int64
	logLevel        string
}

//nolint:gocognit,gocyclo // main function complexity is acceptable for CLI tool
func main() {
	cfg := parseFlags()

	logger, closeLog, err := logging.New(logging.Config{Level: cfg.logLevel}, os.Stderr)
	if err != nil {
		log.Fatal(err)
	}
	defer closeLog.Close()

	if cfg.pprofAddr != "" {
		go func() {
			log.Printf("pprof listening on %s", cfg.pprofAddr)
			//nolint:gosec // intentional pprof server without timeouts for profiling
			if err := http.ListenAndServe(cfg.pprofAddr, nil); err != nil {
				log.Printf("pprof server error: %v", err)
			}
		}()
	}

	dir, cleanup, err := setupTempDir(cfg)
	if err != nil {
		log.Fatal(err)
	}
	if cleanup != nil {
		defer cleanup() //nolint:errcheck // cleanup errors are non-fatal in profiler
	}

	data := makeData(cfg.size, cfg.pattern, cfg.randomSeed)
	src, closeSrc, err := openOrigin(cfg, dir, data)
	if err != nil {
		log.Fatal(err) //nolint:gocritic // exitAfterDefer is intentional - cleanup is best-effort
	}
	defer closeSrc()

	if cfg.fgProfile != "" {
		fgFile, fgErr := os.Create(cfg.fgProfile)
		if fgErr != nil {
			log.Fatal(fgErr)
		}
		stopFG := fgprof.Start(fgFile, fgprof.FormatPprof)
		defer func() {
			if err := stopFG(); err != nil {
				log.Printf("fgprof stop error: %v", err)
			}
			_ = fgFile.Close()
		}()
	}

	if cfg.cpuProfile != "" {
		cpuFile, cpuErr := os.Create(cfg.cpuProfile)
		if cpuErr != nil {
			log.Fatal(cpuErr)
		}
		if cpuErr = pprof.StartCPUProfile(cpuFile); cpuErr != nil {
			log.Fatal(cpuErr)
		}
		defer func() {
			pprof.StopCPUProfile()
			_ = cpuFile.Close()
		}()
	}

	if cfg.traceFile != "" {
		traceFile, traceErr := os.Create(cfg.traceFile)
		if traceErr != nil {
			log.Fatal(traceErr)
		}
		if traceErr = trace.Start(traceFile); traceErr != nil {
			log.Fatal(traceErr)
		}
		defer func() {
			trace.Stop()
			_ = traceFile.Close()
		}()
	}

	stats, err := runProfile(cfg, src, dir, logger)
	if err != nil {
		log.Fatal(err)
	}

	if cfg.memProfile != "" {
		runtime.GC()
		f, err := os.Create(cfg.memProfile)
		if err != nil {
			log.Fatal(err)
		}
		if err := pprof.WriteHeapProfile(f); err != nil {
			log.Fatal(err)
		}
		_ = f.Close()
	}

	fmt.Printf("mode=%s cache=%s ops=%d bytes=%d elapsed=%s throughput=%.2f MB/s wait=%s hits=%d misses=%d fallbacks=%d %s\n",
		cfg.mode,
		cfg.cache,
		stats.ops,
		stats.bytes,
		stats.elapsed,
		float64(stats.bytes)/(1024*1024)/stats.elapsed.Seconds(),
		stats.engine.WaitTime,
		stats.engine.CacheHits,
		stats.engine.CacheMisses,
		stats.engine.FallbackReads,
		src,
	)
}

type profileStats struct {
	ops     int
	bytes   int64
	elapsed time.Duration
	engine  readahead.Stats
}

// add accumulates the counters of one engine run.
func (s *profileStats) add(st readahead.Stats) {
	s.engine.CacheHits += st.CacheHits
	s.engine.CacheMisses += st.CacheMisses
	s.engine.OriginReads += st.OriginReads
	s.engine.FallbackReads += st.FallbackReads
	s.engine.WaitTime += st.WaitTime
}

//nolint:gocritic // hugeParam acceptable for profiler
func runProfile(cfg config, src origin.Origin, rootDir string, logger *slog.Logger) (profileStats, error) {
	start := time.Now()
	var stats profileStats

	shouldContinue := func() bool {
		if cfg.iterations > 0 {
			return stats.ops < cfg.iterations
		}
		return time.Since(start) < cfg.duration
	}

	plan, err := planReads(cfg, src.Size())
	if err != nil {
		return profileStats{}, err
	}

	c, closeCache, err := newCache(cfg, rootDir, logger)
	if err != nil {
		return profileStats{}, err
	}
	defer func() { _ = closeCache() }()

	ctx := context.Background()
	for shouldContinue() {
		if cfg.cold && stats.ops > 0 {
			_ = closeCache()
			if c, closeCache, err = newCache(cfg, rootDir, logger); err != nil {
				return profileStats{}, err
			}
		}

		opts := []readahead.Option{
			readahead.WithLogger(logger),
			readahead.WithWaitBudget(cfg.waitBudget),
		}
		if c != nil {
			opts = append(opts, readahead.WithCache(c))
		}
		e, err := readahead.New(src, opts...)
		if err != nil {
			return profileStats{}, err
		}
		if err := e.Start(); err != nil {
			return profileStats{}, err
		}
		if plan.submit != nil {
			if err := e.Submit(plan.submit); err != nil {
				return profileStats{}, err
			}
		}

		buf := make([]byte, cfg.blockSize)
		for _, r := range plan.reads {
			if err := e.ReadBuffer(ctx, buf[:r.Length], r.Offset); err != nil {
				_ = e.Close()
				return profileStats{}, fmt.Errorf("read %s: %w", r, err)
			}
			stats.bytes += int64(r.Length)
		}

		stats.add(e.Stats())
		if err := e.Close(); err != nil {
			return profileStats{}, err
		}
		stats.ops++
	}

	stats.elapsed = time.Since(start)
	return stats, nil
}

// readPlan is the ranges submitted for prefetch and the reads issued after.
type readPlan struct {
	submit []readahead.Range
	reads  []readahead.Range
}

//nolint:gocritic // hugeParam acceptable for profiler
func planReads(cfg config, size int64) (readPlan, error) {
	blocks := readahead.Split(0, size, cfg.blockSize)
	switch cfg.mode {
	case "sequential":
		return readPlan{submit: blocks, reads: blocks}, nil
	case "subrange":
		// Read the middle of each block, served by containment.
		reads := make([]readahead.Range, 0, len(blocks))
		for _, b := range blocks {
			n := min(cfg.readSize, b.Length)
			off := b.Offset + int64(b.Length-n)/2
			reads = append(reads, readahead.Range{Offset: off, Length: n})
		}
		return readPlan{submit: blocks, reads: reads}, nil
	case "shuffled":
		rng := rand.New(rand.NewSource(cfg.randomSeed)) //nolint:gosec // intentional for reproducible benchmarks
		order := append([]readahead.Range(nil), blocks...)
		rng.Shuffle(len(order), func(i, j int) { order[i], order[j] = order[j], order[i] })
		return readPlan{submit: order, reads: order}, nil
	case "unplanned":
		return readPlan{reads: blocks}, nil
	default:
		return readPlan{}, fmt.Errorf("unknown mode %q", cfg.mode)
	}
}

func parseFlags() config {
	var cfg config
	var bandwidth string
	flag.StringVar(&cfg.mode, "mode", "sequential", "mode: sequential, subrange, shuffled, unplanned")
	flag.Int64Var(&cfg.size, "size", 64<<20, "origin size in bytes")
	flag.IntVar(&cfg.blockSize, "block-size", 1<<20, "prefetch block size in bytes")
	flag.IntVar(&cfg.readSize, "read-size", 64<<10, "read size for subrange mode")
	flag.StringVar(&cfg.pattern, "pattern", "compressible", "pattern: compressible or random")
	flag.StringVar(&cfg.dataURL, "data-url", "", "HTTP origin URL (use \"local\" to serve generated data)")
	flag.DurationVar(&cfg.originLatency, "origin-latency", 0, "minimum duration of each origin read")
	flag.StringVar(&bandwidth, "origin-bandwidth", "", "origin read rate (e.g. 10MiB/s)")
	flag.DurationVar(&cfg.waitBudget, "wait-budget", 0, "max wait for a queued block before a direct read (0 waits)")
	flag.StringVar(&cfg.fgProfile, "fgprofile", "", "write fgprof (wall clock) profile to file")
	flag.DurationVar(&cfg.duration, "duration", 10*time.Second, "duration to run (ignored if iterations > 0)")
	flag.IntVar(&cfg.iterations, "iterations", 0, "number of iterations to run")
	flag.StringVar(&cfg.pprofAddr, "pprof-addr", "", "pprof listen address (e.g. :6060)")
	flag.StringVar(&cfg.cpuProfile, "cpuprofile", "", "write CPU profile to file")
	flag.StringVar(&cfg.memProfile, "memprofile", "", "write heap profile to file")
	flag.StringVar(&cfg.traceFile, "trace", "", "write trace to file")
	flag.StringVar(&cfg.cache, "cache", "disk", "cache: disk, badger, memory, none")
	flag.StringVar(&cfg.cacheDir, "cache-dir", "", "cache directory (disk and badger caches)")
	flag.BoolVar(&cfg.compress, "compress", false, "zstd-compress disk cache entries")
	flag.BoolVar(&cfg.cold, "cold", false, "recreate the cache each iteration")
	flag.StringVar(&cfg.tempDir, "temp-dir", "", "directory to use for the dataset")
	flag.BoolVar(&cfg.keepTemp, "keep-temp", false, "keep temp dir after run")
	flag.Int64Var(&cfg.randomSeed, "seed", 1, "random seed")
	flag.StringVar(&cfg.logLevel, "log-level", "warn", "log level")
	flag.Parse()

	if bandwidth != "" {
		bps, err := parseBandwidth(bandwidth)
		if err != nil {
			log.Fatal(err)
		}
		cfg.originBandwidth = bps
	}
	if cfg.blockSize <= 0 || cfg.size <= 0 {
		log.Fatal("size and block-size must be > 0")
	}
	return cfg
}

//nolint:gocritic // hugeParam acceptable for profiler
func setupTempDir(cfg config) (string, func() error, error) {
	if cfg.tempDir != "" {
		if err := os.MkdirAll(cfg.tempDir, 0o755); err != nil {
			return "", nil, err
		}
		return cfg.tempDir, nil, nil
	}
	dir, err := os.MkdirTemp("", "readahead-profiler-*")
	if err != nil {
		return "", nil, err
	}
	if cfg.keepTemp {
		log.Printf("keeping temp dir %s", dir)
		return dir, nil, nil
	}
	return dir, func() error { return os.RemoveAll(dir) }, nil
}

func makeData(size int64, pattern string, seed int64) []byte {
	data := make([]byte, size)
	if pattern == "random" {
		rng := rand.New(rand.NewSource(seed)) //nolint:gosec // intentional for reproducible benchmarks
		_, _ = rng.Read(data)
		return data
	}
	for i := range data {
		data[i] = byte('a' + i%26)
	}
	return data
}

//nolint:gocritic // hugeParam acceptable for profiler
func newCache(cfg config, rootDir string, logger *slog.Logger) (cache.Cache, func() error, error) {
	noop := func() error { return nil }
	dir := cfg.cacheDir
	if dir == "" {
		dir = filepath.Join(rootDir, "cache")
	}

	switch cfg.cache {
	case cacheNone:
		return nil, noop, nil
	case "memory":
		c, err := badger.Open("", badger.WithInMemory(), badger.WithLogger(logger))
		if err != nil {
			return nil, nil, err
		}
		return c, c.Close, nil
	case "badger":
		if cfg.cold {
			if err := os.RemoveAll(dir); err != nil {
				return nil, nil, err
			}
		}
		c, err := badger.Open(dir, badger.WithLogger(logger))
		if err != nil {
			return nil, nil, err
		}
		return c, c.Close, nil
	case "disk":
		if cfg.cold {
			if err := os.RemoveAll(dir); err != nil {
				return nil, nil, err
			}
		}
		c, err := disk.New(dir, disk.WithLogger(logger), disk.WithCompression(cfg.compress))
		if err != nil {
			return nil, nil, err
		}
		return c, c.Close, nil
	default:
		return nil, nil, errors.New("unknown cache type: " + cfg.cache)
	}
}

// Command blobprof writes a set of blobs, pages them in through views from
// several workers and reports throughput. With --registry the blobs are
// published to an OCI registry and read back over HTTP range requests.
package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"math/rand/v2"
	"os"
	"os/signal"
	"path/filepath"
	"runtime"
	"runtime/pprof"
	"sync/atomic"
	"time"

	"github.com/lmittmann/tint"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/pflag"
	"golang.org/x/sync/errgroup"

	"github.com/meigma/blobfs"
	"github.com/meigma/blobfs/cache/disk"
	"github.com/meigma/blobfs/merkle"
	"github.com/meigma/blobfs/objstore"
	"github.com/meigma/blobfs/pager"
	"github.com/meigma/blobfs/remote"
)

type config struct {
	blobs       int
	size        int
	compression string
	pattern     string
	readAhead   uint64
	workers     int
	iterations  int
	dir         string
	keepDir     bool
	cpuProfile  string
	memProfile  string
	verbose     bool
	seed        uint64

	registry    string
	plainHTTP   bool
	httpLatency time.Duration
	httpBPS     int64
	cacheDir    string
}

type profileStats struct {
	ops     int64
	bytes   int64
	elapsed time.Duration
}

func main() {
	if err := run(); err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			return
		}
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	cfg, err := parseFlags(os.Args[1:])
	if err != nil {
		return err
	}

	level := slog.LevelInfo
	if cfg.verbose {
		level = slog.LevelDebug
	}
	logger := slog.New(tint.NewHandler(os.Stderr, &tint.Options{
		Level:      level,
		TimeFormat: "15:04:05.000",
		NoColor:    os.Getenv("NO_COLOR") != "",
	}))

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()

	dir, cleanup, err := setupDir(cfg)
	if err != nil {
		return err
	}
	defer cleanup()

	store, err := objstore.Open(filepath.Join(dir, "store"), objstore.WithLogger(logger))
	if err != nil {
		return err
	}
	hashes, written, err := writeBlobs(ctx, store, cfg)
	if err != nil {
		return err
	}
	logger.Info("blobs written",
		slog.Int("count", len(hashes)),
		slog.Int64("bytes", written),
		slog.String("compression", cfg.compression))

	var src objstore.Store = store
	if cfg.registry != "" {
		if src, err = publish(ctx, store, hashes, cfg, logger); err != nil {
			return err
		}
	}

	registry := prometheus.NewRegistry()
	readAhead := pager.NoReadAhead
	if cfg.readAhead > 0 {
		readAhead = pager.FixedWindow(cfg.readAhead)
	}
	p, err := pager.New(
		pager.WithReadAhead(readAhead),
		pager.WithRegisterer(registry),
		pager.WithLogger(logger),
	)
	if err != nil {
		return err
	}
	vol, err := blobfs.NewVolume(src, p,
		blobfs.WithLogger(logger),
		blobfs.WithTombstoneJournal(filepath.Join(dir, "tombstones.cbor")))
	if err != nil {
		return err
	}
	defer vol.Close()

	if cfg.cpuProfile != "" {
		f, err := os.Create(cfg.cpuProfile)
		if err != nil {
			return err
		}
		if err := pprof.StartCPUProfile(f); err != nil {
			f.Close()
			return err
		}
		defer func() {
			pprof.StopCPUProfile()
			_ = f.Close()
		}()
	}

	stats, err := readBlobs(ctx, vol, hashes, cfg)
	if err != nil {
		return err
	}

	if cfg.memProfile != "" {
		runtime.GC()
		f, err := os.Create(cfg.memProfile)
		if err != nil {
			return err
		}
		defer f.Close()
		if err := pprof.WriteHeapProfile(f); err != nil {
			return err
		}
	}

	logger.Info("profile done",
		slog.Int64("ops", stats.ops),
		slog.Int64("bytes", stats.bytes),
		slog.Duration("elapsed", stats.elapsed),
		slog.String("throughput", fmt.Sprintf("%.2f MB/s", float64(stats.bytes)/(1<<20)/stats.elapsed.Seconds())))
	logMetrics(logger, registry)
	return nil
}

func parseFlags(args []string) (config, error) {
	var cfg config
	var httpBPS string
	flags := pflag.NewFlagSet("blobprof", pflag.ContinueOnError)
	flags.IntVar(&cfg.blobs, "blobs", 64, "number of blobs")
	flags.IntVar(&cfg.size, "size", 1<<20, "blob size in bytes")
	flags.StringVar(&cfg.compression, "compression", "zstd", "compression: none, zstd or lz4")
	flags.StringVar(&cfg.pattern, "pattern", "compressible", "pattern: compressible or random")
	flags.Uint64Var(&cfg.readAhead, "read-ahead", pager.DefaultReadAhead, "read-ahead window in bytes (0 disables)")
	flags.IntVar(&cfg.workers, "workers", runtime.GOMAXPROCS(0), "concurrent readers")
	flags.IntVar(&cfg.iterations, "iterations", 1, "passes over every blob")
	flags.StringVar(&cfg.dir, "dir", "", "working directory (default: a temp dir)")
	flags.BoolVar(&cfg.keepDir, "keep-dir", false, "keep the working directory after the run")
	flags.StringVar(&cfg.cpuProfile, "cpuprofile", "", "write CPU profile to file")
	flags.StringVar(&cfg.memProfile, "memprofile", "", "write heap profile to file")
	flags.BoolVarP(&cfg.verbose, "verbose", "v", false, "debug logging")
	flags.Uint64Var(&cfg.seed, "seed", 1, "random seed")
	flags.StringVar(&cfg.registry, "registry", "", "publish to and read from this repository (e.g. localhost:5000/blobs)")
	flags.BoolVar(&cfg.plainHTTP, "plain-http", false, "talk to the registry over HTTP")
	flags.DurationVar(&cfg.httpLatency, "http-latency", 0, "added latency per registry range request")
	flags.StringVar(&httpBPS, "http-bps", "", "bytes/sec throttle for registry range reads (e.g. 10MBps)")
	flags.StringVar(&cfg.cacheDir, "cache-dir", "", "disk block cache for registry reads")

	if err := flags.Parse(args); err != nil {
		return config{}, err
	}
	if flags.NArg() > 0 {
		return config{}, fmt.Errorf("unexpected argument: %s", flags.Arg(0))
	}
	if cfg.blobs <= 0 || cfg.size < 0 || cfg.workers <= 0 || cfg.iterations <= 0 {
		return config{}, errors.New("--blobs, --workers and --iterations must be positive and --size non-negative")
	}
	if _, err := parseCompression(cfg.compression); err != nil {
		return config{}, err
	}
	if httpBPS != "" {
		bps, err := parseBytesPerSecond(httpBPS)
		if err != nil {
			return config{}, fmt.Errorf("http-bps: %w", err)
		}
		cfg.httpBPS = bps
	}
	return cfg, nil
}

func parseCompression(name string) ([]objstore.PutOption, error) {
	switch name {
	case "none":
		return []objstore.PutOption{objstore.WithCompression(objstore.CompressNever)}, nil
	case "zstd":
		return []objstore.PutOption{objstore.WithCompression(objstore.CompressAlways)}, nil
	case "lz4":
		return []objstore.PutOption{
			objstore.WithCompression(objstore.CompressAlways),
			objstore.WithCodec(blobfs.CompressionLZ4),
		}, nil
	default:
		return nil, fmt.Errorf("unknown compression: %s", name)
	}
}

func setupDir(cfg config) (string, func(), error) {
	if cfg.dir != "" {
		return cfg.dir, func() {}, os.MkdirAll(cfg.dir, 0o750)
	}
	dir, err := os.MkdirTemp("", "blobprof-*")
	if err != nil {
		return "", nil, err
	}
	return dir, func() {
		if !cfg.keepDir {
			_ = os.RemoveAll(dir)
		}
	}, nil
}

func makeContent(i, size int, pattern string, rng *rand.Rand) []byte {
	content := make([]byte, size)
	switch pattern {
	case "random":
		for j := range content {
			content[j] = byte(rng.Uint32())
		}
	default:
		fill := byte('a' + i%26)
		for j := range content {
			content[j] = fill
		}
	}
	if size > 0 {
		content[0] = byte(i)
	}
	if size > 1 {
		content[1] = byte(i >> 8)
	}
	return content
}

func writeBlobs(ctx context.Context, store *objstore.FS, cfg config) ([]merkle.Hash, int64, error) {
	opts, err := parseCompression(cfg.compression)
	if err != nil {
		return nil, 0, err
	}
	rng := rand.New(rand.NewPCG(cfg.seed, cfg.seed)) //nolint:gosec // reproducible datasets
	hashes := make([]merkle.Hash, 0, cfg.blobs)
	var written int64
	for i := range cfg.blobs {
		hash, err := store.Put(ctx, makeContent(i, cfg.size, cfg.pattern, rng), opts...)
		if err != nil {
			return nil, 0, err
		}
		hashes = append(hashes, hash)
		written += int64(cfg.size)
	}
	return hashes, written, nil
}

func publish(ctx context.Context, local *objstore.FS, hashes []merkle.Hash, cfg config, logger *slog.Logger) (*remote.Store, error) {
	client, err := remote.NewClient(cfg.registry, remote.WithPlainHTTP(cfg.plainHTTP))
	if err != nil {
		return nil, err
	}
	opts := []remote.StoreOption{
		remote.WithLogger(logger),
		remote.WithRangeClient(newHTTPClient(cfg)),
	}
	if cfg.cacheDir != "" {
		cache, err := disk.NewBlockCache(cfg.cacheDir, disk.WithLogger(logger))
		if err != nil {
			return nil, err
		}
		opts = append(opts, remote.WithBlockCache(cache))
	}
	store, err := remote.NewStore(client, opts...)
	if err != nil {
		return nil, err
	}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(cfg.workers)
	for _, hash := range hashes {
		g.Go(func() error {
			_, err := store.PublishFrom(gctx, local, hash)
			return err
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return store, nil
}

func readBlobs(ctx context.Context, vol *blobfs.Volume, hashes []merkle.Hash, cfg config) (profileStats, error) {
	var ops, total atomic.Int64
	start := time.Now()

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(cfg.workers)
	for range cfg.iterations {
		for _, hash := range hashes {
			g.Go(func() error {
				n, err := readBlob(gctx, vol, hash)
				if err != nil {
					return fmt.Errorf("read %s: %w", hash.Short(), err)
				}
				ops.Add(1)
				total.Add(n)
				return nil
			})
		}
	}
	if err := g.Wait(); err != nil {
		return profileStats{}, err
	}
	return profileStats{ops: ops.Load(), bytes: total.Load(), elapsed: time.Since(start)}, nil
}

func readBlob(ctx context.Context, vol *blobfs.Volume, hash merkle.Hash) (int64, error) {
	opened, err := vol.Open(ctx, hash)
	if err != nil {
		return 0, err
	}
	defer opened.Close()
	view, err := opened.CreateView()
	if err != nil {
		return 0, err
	}
	defer view.Close()
	return io.Copy(io.Discard, view)
}

// logMetrics logs the pager counters gathered during the run.
func logMetrics(logger *slog.Logger, registry *prometheus.Registry) {
	families, err := registry.Gather()
	if err != nil {
		logger.Warn("gather metrics", slog.Any("error", err))
		return
	}
	for _, mf := range families {
		var sum float64
		for _, m := range mf.GetMetric() {
			switch {
			case m.GetCounter() != nil:
				sum += m.GetCounter().GetValue()
			case m.GetGauge() != nil:
				sum += m.GetGauge().GetValue()
			case m.GetHistogram() != nil:
				sum += float64(m.GetHistogram().GetSampleCount())
			}
		}
		logger.Info("metric", slog.String("name", mf.GetName()), slog.Float64("value", sum))
	}
}

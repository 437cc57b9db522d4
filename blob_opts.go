package blobfs

import (
	"log/slog"

	"github.com/meigma/blobfs/internal/codec"
)

// Option configures a Volume.
type Option func(*Volume)

// WithLogger sets the logger for blob lifecycle events.
// If not set, logging is disabled.
func WithLogger(logger *slog.Logger) Option {
	return func(v *Volume) {
		v.logger = logger
	}
}

// WithMaxDecoderMemory limits the maximum memory used by the zstd decoder.
// Set limit to 0 to disable the limit.
func WithMaxDecoderMemory(limit uint64) Option {
	return func(v *Volume) {
		v.decoderOpts = append(v.decoderOpts, codec.WithMaxDecoderMemory(limit))
	}
}

// WithDecoderConcurrency sets the zstd decoder concurrency level.
// Values < 0 are treated as 0 (use GOMAXPROCS). Default is 1, since chunks
// are small and page-ins already run in parallel.
func WithDecoderConcurrency(n int) Option {
	return func(v *Volume) {
		v.decoderOpts = append(v.decoderOpts, codec.WithDecoderConcurrency(n))
	}
}

// WithDecoderLowmem sets whether the zstd decoder should use low-memory mode.
func WithDecoderLowmem(enabled bool) Option {
	return func(v *Volume) {
		v.decoderOpts = append(v.decoderOpts, codec.WithDecoderLowmem(enabled))
	}
}

// WithGraveyard sends tombstones to g instead of the volume's own graveyard.
// The caller owns g.
func WithGraveyard(g Graveyard) Option {
	return func(v *Volume) {
		v.graveyard = g
	}
}

// WithTombstoneJournal persists tombstones of the volume's own graveyard at
// path, so deletions interrupted by a restart are retried. It has no effect
// with WithGraveyard.
func WithTombstoneJournal(path string) Option {
	return func(v *Volume) {
		v.journalPath = path
	}
}

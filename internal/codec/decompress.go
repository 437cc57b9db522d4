// Package codec compresses and decompresses the independently coded chunks of
// a compressed blob.
package codec

import (
	"fmt"
	"sync"

	"github.com/klauspost/compress/zstd"
	"github.com/pierrec/lz4/v4"

	"github.com/meigma/blobfs/internal/blobtype"
)

// Decompressor expands one compressed chunk into dst and reports how many
// bytes it produced. A Decompressor must not be used by two goroutines at once.
type Decompressor interface {
	DecompressInto(dst, src []byte) (int, error)
}

// Pool manages reusable decompression contexts so that concurrent page-ins
// never share decoder state.
type Pool struct {
	zstdPool              *sync.Pool
	maxDecoderMemory      uint64
	decoderConcurrencySet bool
	decoderConcurrency    int
	decoderLowmemSet      bool
	decoderLowmem         bool
}

// Option configures a Pool.
type Option func(*Pool)

// WithDecoderConcurrency sets the zstd decoder concurrency level.
// Values < 0 are treated as 0 (use GOMAXPROCS).
func WithDecoderConcurrency(n int) Option {
	return func(p *Pool) {
		if n < 0 {
			n = 0
		}
		p.decoderConcurrency = n
		p.decoderConcurrencySet = true
	}
}

// WithDecoderLowmem enables or disables low-memory mode for zstd decoders.
func WithDecoderLowmem(b bool) Option {
	return func(p *Pool) {
		p.decoderLowmem = b
		p.decoderLowmemSet = true
	}
}

// WithMaxDecoderMemory limits the memory a zstd decoder may allocate.
// Zero disables the limit.
func WithMaxDecoderMemory(n uint64) Option {
	return func(p *Pool) {
		p.maxDecoderMemory = n
	}
}

// NewPool creates a pool of decompression contexts.
func NewPool(opts ...Option) *Pool {
	p := &Pool{
		decoderConcurrencySet: true,
		decoderConcurrency:    1,
		decoderLowmemSet:      true,
		decoderLowmem:         false,
	}
	for _, opt := range opts {
		opt(p)
	}
	p.zstdPool = &sync.Pool{
		New: func() any {
			dec, err := p.newZstdDecoder()
			if err != nil {
				return nil
			}
			return dec
		},
	}
	return p
}

// Get checks out a decompressor for the given codec. The caller must call the
// returned release function when done. If an error is returned, no release
// function needs to be called.
func (p *Pool) Get(c blobtype.Compression) (Decompressor, func(), error) {
	switch c {
	case blobtype.CompressionZstd:
		dec, release, err := p.getZstd()
		if err != nil {
			return nil, nil, fmt.Errorf("%w: %v", blobtype.ErrIntegrity, err)
		}
		return zstdDecompressor{dec}, release, nil
	case blobtype.CompressionLZ4:
		return lz4Decompressor{}, func() {}, nil
	default:
		return nil, nil, fmt.Errorf("%w: no decompressor for %s", blobtype.ErrNotSupported, c)
	}
}

func (p *Pool) getZstd() (*zstd.Decoder, func(), error) {
	if p == nil || p.zstdPool == nil {
		// No pool available, create a one-off decoder
		dec, err := p.newZstdDecoder()
		if err != nil {
			return nil, nil, err
		}
		return dec, dec.Close, nil
	}

	value := p.zstdPool.Get()
	if value == nil {
		// Pool's New function failed, try directly
		dec, err := p.newZstdDecoder()
		if err != nil {
			return nil, nil, err
		}
		return dec, dec.Close, nil
	}

	dec, ok := value.(*zstd.Decoder)
	if !ok {
		newDec, err := p.newZstdDecoder()
		if err != nil {
			return nil, nil, err
		}
		return newDec, newDec.Close, nil
	}

	return dec, func() {
		p.zstdPool.Put(dec)
	}, nil
}

// newZstdDecoder creates a new zstd decoder with the configured limits.
func (p *Pool) newZstdDecoder() (*zstd.Decoder, error) {
	if p == nil {
		return zstd.NewReader(nil)
	}

	opts := make([]zstd.DOption, 0, 3)
	if p.decoderConcurrencySet {
		opts = append(opts, zstd.WithDecoderConcurrency(p.decoderConcurrency))
	}
	if p.decoderLowmemSet {
		opts = append(opts, zstd.WithDecoderLowmem(p.decoderLowmem))
	}
	if p.maxDecoderMemory != 0 {
		opts = append(opts, zstd.WithDecoderMaxMemory(p.maxDecoderMemory))
	}
	return zstd.NewReader(nil, opts...)
}

type zstdDecompressor struct {
	dec *zstd.Decoder
}

func (z zstdDecompressor) DecompressInto(dst, src []byte) (int, error) {
	// Capping dst makes an oversized frame reallocate instead of spilling
	// into whatever follows dst; the caller sees the longer length.
	result, err := z.dec.DecodeAll(src, dst[:0:len(dst)])
	if err != nil {
		return 0, err
	}
	return len(result), nil
}

type lz4Decompressor struct{}

func (lz4Decompressor) DecompressInto(dst, src []byte) (int, error) {
	if len(src) == 0 {
		return 0, nil
	}
	n, err := lz4.UncompressBlock(src, dst)
	if err != nil {
		return 0, err
	}
	return n, nil
}

package codec

import (
	"errors"
	"fmt"

	"github.com/klauspost/compress/zstd"
	"github.com/pierrec/lz4/v4"

	"github.com/meigma/blobfs/internal/blobtype"
)

// ErrIncompressible is returned when a codec cannot represent a chunk, which
// lz4 block mode reports for input without any matches.
var ErrIncompressible = errors.New("codec: data is incompressible")

// zstd.Encoder is safe for concurrent EncodeAll calls.
var zstdEncoder *zstd.Encoder

func init() {
	var err error
	zstdEncoder, err = zstd.NewWriter(nil,
		zstd.WithEncoderLevel(zstd.SpeedDefault),
		zstd.WithEncoderCRC(false),
	)
	if err != nil {
		panic("codec: zstd encoder initialization failed: " + err.Error())
	}
}

// CompressChunk compresses one chunk with the given codec, appending to dst.
// The output may be larger than data; callers that care compare sizes.
func CompressChunk(dst, data []byte, c blobtype.Compression) ([]byte, error) {
	switch c {
	case blobtype.CompressionZstd:
		return zstdEncoder.EncodeAll(data, dst), nil
	case blobtype.CompressionLZ4:
		bound := lz4.CompressBlockBound(len(data))
		start := len(dst)
		out := append(dst, make([]byte, bound)...)
		written, err := lz4.CompressBlock(data, out[start:], nil)
		if err != nil {
			return dst, fmt.Errorf("lz4 compress: %w", err)
		}
		// CompressBlock returns 0 for incompressible input.
		if written == 0 {
			return dst, ErrIncompressible
		}
		return out[:start+written], nil
	default:
		return dst, fmt.Errorf("%w: no compressor for %s", blobtype.ErrNotSupported, c)
	}
}

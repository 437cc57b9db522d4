package objstore

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/meigma/blobfs/internal/blobtype"
	"github.com/meigma/blobfs/internal/codec"
	"github.com/meigma/blobfs/internal/sizing"
	"github.com/meigma/blobfs/merkle"
)

// Record returns the stored record for hash.
func (s *FS) Record(hash merkle.Hash) (*Record, error) {
	return s.readRecord(hash)
}

// Put stores data as a blob and returns its content hash. Storing a hash that
// already exists is a no-op.
func (s *FS) Put(ctx context.Context, data []byte, opts ...PutOption) (merkle.Hash, error) {
	cfg := putConfig{
		mode:      CompressAuto,
		codec:     blobtype.CompressionZstd,
		chunkSize: DefaultChunkSize,
	}
	for _, opt := range opts {
		opt(&cfg)
	}
	if cfg.chunkSize == 0 || cfg.chunkSize%merkle.BlockSize != 0 {
		return merkle.Hash{}, fmt.Errorf("objstore: chunk size %d is not a positive multiple of %d", cfg.chunkSize, merkle.BlockSize)
	}

	tree := merkle.Build(data)
	hash := tree.Root()
	if s.Has(hash) {
		s.log().Debug("blob already stored", slog.String("hash", hash.Short()))
		return hash, nil
	}
	if err := ctx.Err(); err != nil {
		return merkle.Hash{}, err
	}

	payload, rec, err := encode(data, cfg)
	if err != nil {
		return merkle.Hash{}, err
	}
	rec.Leaves = tree.Leaves()

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.Has(hash) {
		return hash, nil
	}
	id, err := s.allocateID()
	if err != nil {
		return merkle.Hash{}, err
	}
	rec.ObjectID = id
	if err := s.writeFile(s.ObjectPath(id), payload); err != nil {
		return merkle.Hash{}, fmt.Errorf("objstore: write object %d: %w", id, err)
	}
	if err := s.writeFile(s.recordPath(hash), MarshalRecord(rec)); err != nil {
		_ = s.DeleteObject(context.WithoutCancel(ctx), id) //nolint:errcheck // best-effort cleanup
		return merkle.Hash{}, fmt.Errorf("objstore: write record: %w", err)
	}

	s.log().Debug("stored blob",
		slog.String("hash", hash.Short()),
		slog.Uint64("object", id),
		slog.String("compression", rec.Compression.String()),
		slog.Int("size", len(data)),
		slog.Int("stored", len(payload)))
	return hash, nil
}

// encode produces the stored bytes of data and a record without object id or
// leaves.
func encode(data []byte, cfg putConfig) ([]byte, *Record, error) {
	raw := &Record{
		UncompressedSize: uint64(len(data)),
		Compression:      blobtype.CompressionNone,
	}
	if len(data) == 0 || cfg.mode == CompressNever {
		return data, raw, nil
	}

	payload, seek, err := EncodeChunks(data, cfg.codec, cfg.chunkSize)
	switch {
	case errors.Is(err, codec.ErrIncompressible):
		return data, raw, nil
	case err != nil:
		return nil, nil, err
	case cfg.mode == CompressAuto && len(payload) >= len(data):
		return data, raw, nil
	}
	return payload, &Record{
		UncompressedSize: uint64(len(data)),
		Compression:      cfg.codec,
		ChunkSize:        cfg.chunkSize,
		SeekTable:        seek,
	}, nil
}

// EncodeChunks compresses data in independent chunkSize chunks and returns the
// concatenated chunks with the offset of each chunk.
func EncodeChunks(data []byte, c blobtype.Compression, chunkSize uint64) ([]byte, []uint64, error) {
	chunk, err := sizing.ToInt(chunkSize, blobtype.ErrSizeOverflow)
	if err != nil {
		return nil, nil, err
	}
	out := make([]byte, 0, len(data)/2)
	seek := make([]uint64, 0, sizing.DivCeil(uint64(len(data)), chunkSize))
	for off := 0; off < len(data); off += chunk {
		end := min(off+chunk, len(data))
		seek = append(seek, uint64(len(out)))
		out, err = codec.CompressChunk(out, data[off:end], c)
		if err != nil {
			return nil, nil, err
		}
	}
	return out, seek, nil
}

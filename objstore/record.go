package objstore

import (
	"errors"
	"fmt"

	flatbuffers "github.com/google/flatbuffers/go"

	"github.com/meigma/blobfs/internal/blobtype"
	"github.com/meigma/blobfs/internal/fb"
	"github.com/meigma/blobfs/internal/sizing"
	"github.com/meigma/blobfs/merkle"
)

// RecordVersion is the blob record format version written by MarshalRecord.
const RecordVersion = 1

// Record is the persisted metadata of a blob: where its bytes live, how they
// are coded and the Merkle leaves that verify them.
type Record struct {
	ObjectID         uint64
	UncompressedSize uint64
	Compression      blobtype.Compression
	// ChunkSize is the logical chunk size of a compressed blob, zero otherwise.
	ChunkSize uint64
	// SeekTable holds the compressed start offset of each chunk.
	SeekTable []uint64
	Leaves    []merkle.Hash
}

// Tree rebuilds the Merkle tree from the stored leaves.
func (r *Record) Tree() *merkle.Tree {
	return merkle.FromLeaves(r.Leaves)
}

// Validate checks the structural consistency of a record loaded from storage.
func (r *Record) Validate() error {
	want := max(sizing.DivCeil(r.UncompressedSize, merkle.BlockSize), 1)
	if uint64(len(r.Leaves)) != want {
		return fmt.Errorf("%w: record has %d leaves, want %d", blobtype.ErrInconsistent, len(r.Leaves), want)
	}
	switch r.Compression {
	case blobtype.CompressionNone:
		if len(r.SeekTable) != 0 {
			return fmt.Errorf("%w: uncompressed record has a seek table", blobtype.ErrInconsistent)
		}
		return nil
	case blobtype.CompressionZstd, blobtype.CompressionLZ4:
	default:
		return fmt.Errorf("%w: record compression %s", blobtype.ErrNotSupported, r.Compression)
	}
	if r.ChunkSize == 0 || r.ChunkSize%merkle.BlockSize != 0 {
		return fmt.Errorf("%w: chunk size %d", blobtype.ErrInconsistent, r.ChunkSize)
	}
	if chunks := sizing.DivCeil(r.UncompressedSize, r.ChunkSize); uint64(len(r.SeekTable)) != chunks {
		return fmt.Errorf("%w: seek table has %d entries, want %d", blobtype.ErrInconsistent, len(r.SeekTable), chunks)
	}
	for i, off := range r.SeekTable {
		if i == 0 && off != 0 {
			return fmt.Errorf("%w: seek table starts at %d", blobtype.ErrInconsistent, off)
		}
		if i > 0 && off <= r.SeekTable[i-1] {
			return fmt.Errorf("%w: seek table not increasing at %d", blobtype.ErrInconsistent, i)
		}
	}
	return nil
}

// MarshalRecord serializes a record to FlatBuffers.
func MarshalRecord(r *Record) []byte {
	builder := flatbuffers.NewBuilder(256 + len(r.Leaves)*merkle.HashSize + len(r.SeekTable)*8)

	fb.BlobRecordStartMerkleLeavesVector(builder, len(r.Leaves)*merkle.HashSize)
	for i := len(r.Leaves) - 1; i >= 0; i-- {
		leaf := r.Leaves[i]
		for j := merkle.HashSize - 1; j >= 0; j-- {
			builder.PrependByte(leaf[j])
		}
	}
	leavesOffset := builder.EndVector(len(r.Leaves) * merkle.HashSize)

	var seekOffset flatbuffers.UOffsetT
	if len(r.SeekTable) > 0 {
		fb.BlobRecordStartSeekTableVector(builder, len(r.SeekTable))
		for i := len(r.SeekTable) - 1; i >= 0; i-- {
			builder.PrependUint64(r.SeekTable[i])
		}
		seekOffset = builder.EndVector(len(r.SeekTable))
	}

	fb.BlobRecordStart(builder)
	fb.BlobRecordAddVersion(builder, RecordVersion)
	fb.BlobRecordAddObjectId(builder, r.ObjectID)
	fb.BlobRecordAddUncompressedSize(builder, r.UncompressedSize)
	fb.BlobRecordAddCompression(builder, fb.Compression(r.Compression))
	fb.BlobRecordAddChunkSize(builder, r.ChunkSize)
	if seekOffset != 0 {
		fb.BlobRecordAddSeekTable(builder, seekOffset)
	}
	fb.BlobRecordAddMerkleLeaves(builder, leavesOffset)
	fb.FinishBlobRecordBuffer(builder, fb.BlobRecordEnd(builder))
	return builder.FinishedBytes()
}

// UnmarshalRecord parses a FlatBuffers-encoded record. The result does not
// alias data.
func UnmarshalRecord(data []byte) (rec *Record, err error) {
	defer func() {
		if r := recover(); r != nil {
			rec = nil
			err = fmt.Errorf("%w: failed to parse blob record: %v", blobtype.ErrInconsistent, r)
		}
	}()
	if len(data) == 0 {
		return nil, errors.New("blobfs: empty blob record")
	}

	root := fb.GetRootAsBlobRecord(data, 0)
	if v := root.Version(); v != RecordVersion {
		return nil, fmt.Errorf("%w: blob record version %d", blobtype.ErrNotSupported, v)
	}

	raw := root.MerkleLeavesBytes()
	if len(raw)%merkle.HashSize != 0 {
		return nil, fmt.Errorf("%w: merkle leaves length %d", blobtype.ErrInconsistent, len(raw))
	}
	leaves := make([]merkle.Hash, len(raw)/merkle.HashSize)
	for i := range leaves {
		copy(leaves[i][:], raw[i*merkle.HashSize:])
	}

	var seek []uint64
	if n := root.SeekTableLength(); n > 0 {
		seek = make([]uint64, n)
		for i := range seek {
			seek[i] = root.SeekTable(i)
		}
	}

	return &Record{
		ObjectID:         root.ObjectId(),
		UncompressedSize: root.UncompressedSize(),
		Compression:      blobtype.Compression(root.Compression()),
		ChunkSize:        root.ChunkSize(),
		SeekTable:        seek,
		Leaves:           leaves,
	}, nil
}

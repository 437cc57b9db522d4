package blobfs

import (
	"context"
	"fmt"

	"golang.org/x/sync/errgroup"

	"github.com/meigma/blobfs/internal/sizing"
	"github.com/meigma/blobfs/merkle"
	"github.com/meigma/blobfs/objstore"
	"github.com/meigma/blobfs/pager"
)

// ReadAlignment is the chunk size for compressed blobs and the Merkle block
// size otherwise.
func (b *Blob) ReadAlignment() uint64 {
	if len(b.seekTable) == 0 {
		return merkle.BlockSize
	}
	return b.chunkSize
}

// ByteSize returns the uncompressed size.
func (b *Blob) ByteSize() uint64 {
	return b.uncompressedSize
}

// PageIn supplies rng through the pager's default page-in.
func (b *Blob) PageIn(ctx context.Context, rng pager.Range) error {
	return pager.DefaultPageIn(ctx, b.vol.pager, b.reg, b, rng)
}

// MarkDirty panics: blob pages are never modified.
func (b *Blob) MarkDirty(rng pager.Range) {
	panic(fmt.Sprintf("blobfs: mark dirty %s on immutable blob %s", rng, b.root.Short()))
}

// OnZeroChildren drops the reference taken when the view watch was armed.
func (b *Blob) OnZeroChildren() {
	b.DecrementReference()
}

// AlignedRead reads rng from the backing object, decompressing if needed,
// and verifies every block against its Merkle leaf. Bytes past the end of
// the blob are zero.
func (b *Blob) AlignedRead(ctx context.Context, rng pager.Range) (*objstore.Buffer, error) {
	alignment := b.ReadAlignment()
	if alignment == 0 {
		return nil, fmt.Errorf("%w: zero read alignment", ErrInconsistent)
	}
	if rng.Start%alignment != 0 {
		return nil, fmt.Errorf("%w: range %s is not aligned to %d", ErrOutOfRange, rng, alignment)
	}
	n, err := sizing.ToInt(rng.Len(), ErrSizeOverflow)
	if err != nil {
		return nil, err
	}

	buf := b.handle.AllocateBuffer(n)
	var read uint64
	if len(b.seekTable) == 0 {
		read, err = b.readUncompressed(ctx, rng, buf)
	} else {
		read, err = b.readCompressed(ctx, rng, alignment, buf)
	}
	if err == nil {
		err = b.verify(buf.Bytes()[:read], rng.Start)
	}
	if err != nil {
		buf.Release()
		return nil, err
	}
	clear(buf.Bytes()[read:])
	return buf, nil
}

// contentLen is the number of blob bytes within rng.
func (b *Blob) contentLen(rng pager.Range) uint64 {
	if rng.Start >= b.uncompressedSize {
		return 0
	}
	return min(rng.End, b.uncompressedSize) - rng.Start
}

func (b *Blob) readUncompressed(ctx context.Context, rng pager.Range, buf *objstore.Buffer) (uint64, error) {
	n, err := b.handle.ReadAt(ctx, buf.Bytes(), rng.Start)
	if err != nil {
		return 0, fmt.Errorf("read %s of %s: %w", rng, b.root.Short(), err)
	}
	want := b.contentLen(rng)
	if uint64(n) < want {
		return 0, fmt.Errorf("%w: unexpected EOF, read %d, but expected %d", ErrInconsistent, n, want)
	}
	return want, nil
}

func (b *Blob) readCompressed(ctx context.Context, rng pager.Range, alignment uint64, buf *objstore.Buffer) (uint64, error) {
	// Windows may extend past the last chunk when pages are larger than
	// chunks; the bytes past the blob are zeroed by the caller.
	limit, ok := sizing.RoundUp(b.uncompressedSize, max(alignment, b.vol.pager.PageSize()))
	if !ok {
		return 0, fmt.Errorf("%w: blob of %d bytes", ErrSizeOverflow, b.uncompressedSize)
	}
	first := rng.Start / alignment
	last := sizing.DivCeil(min(rng.End, b.uncompressedSize), alignment)
	entries := uint64(len(b.seekTable))
	if first >= entries || last > entries || rng.End > limit {
		return 0, fmt.Errorf("%w: out of bounds seek table access [%d, %d), len %d", ErrOutOfRange, first, last, entries)
	}

	// chunkEnd is the compressed end offset of chunk i.
	size := b.handle.Size()
	chunkEnd := func(i uint64) uint64 {
		if i+1 == entries {
			return size
		}
		return b.seekTable[i+1]
	}
	compressed := pager.Range{Start: b.seekTable[first], End: chunkEnd(last - 1)}
	if compressed.End < compressed.Start {
		return 0, fmt.Errorf("%w: compressed range %s", ErrInconsistent, compressed)
	}

	bs := b.handle.BlockSize()
	alignedStart := sizing.RoundDown(compressed.Start, bs)
	alignedEnd, ok := sizing.RoundUp(compressed.End, bs)
	if !ok {
		return 0, fmt.Errorf("%w: compressed range %s", ErrSizeOverflow, compressed)
	}
	cn, err := sizing.ToInt(alignedEnd-alignedStart, ErrSizeOverflow)
	if err != nil {
		return 0, err
	}
	cbuf := b.handle.AllocateBuffer(cn)
	defer cbuf.Release()

	var (
		g    errgroup.Group
		read int
	)
	g.Go(func() error {
		var err error
		read, err = b.handle.ReadAt(ctx, cbuf.Bytes(), alignedStart)
		return err
	})
	g.Go(buf.Commit)
	if err := g.Wait(); err != nil {
		return 0, fmt.Errorf("read compressed range [%d, %d), len %d: %w", alignedStart, alignedEnd, size, err)
	}
	if spanEnd := compressed.End - alignedStart; uint64(read) < spanEnd {
		return 0, fmt.Errorf("%w: unexpected EOF, read %d, but expected %d", ErrInconsistent, read, spanEnd)
	}

	dec, release, err := b.vol.decoders.Get(b.codec)
	if err != nil {
		return 0, err
	}
	defer release()

	out := buf.Bytes()
	src := cbuf.Bytes()
	for i := first; i < last; i++ {
		start, end := b.seekTable[i], chunkEnd(i)
		if end < start || start < compressed.Start || end > compressed.End {
			return 0, fmt.Errorf("%w: chunk %d spans [%d, %d)", ErrInconsistent, i, start, end)
		}
		lo := i * alignment
		hi := min(lo+alignment, b.uncompressedSize)
		if hi <= lo {
			return 0, fmt.Errorf("%w: chunk %d starts past the end of the blob", ErrOutOfRange, i)
		}
		dst := out[lo-rng.Start : min(hi, rng.End)-rng.Start]
		n, err := dec.DecompressInto(dst, src[start-alignedStart:end-alignedStart])
		if err != nil {
			return 0, fmt.Errorf("%w: decompress chunk %d: %v", ErrIntegrity, i, err)
		}
		if uint64(n) != hi-lo {
			return 0, fmt.Errorf("%w: chunk %d decompressed to %d bytes, want %d", ErrIntegrity, i, n, hi-lo)
		}
	}
	return b.contentLen(rng), nil
}

// verify checks each block of data, which starts at offset, against its leaf.
func (b *Blob) verify(data []byte, offset uint64) error {
	for len(data) > 0 {
		n := min(len(data), merkle.BlockSize)
		index := offset / merkle.BlockSize
		if index >= uint64(len(b.leaves)) {
			return fmt.Errorf("%w: block %d beyond %d merkle leaves", ErrInconsistent, index, len(b.leaves))
		}
		if merkle.HashBlock(data[:n], offset) != b.leaves[index] {
			return fmt.Errorf("%w: hash mismatch at block %d", ErrInconsistent, index)
		}
		data = data[n:]
		offset += uint64(n)
	}
	return nil
}

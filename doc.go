//go:generate flatc --go --go-namespace fb -o internal schema/record.fbs

// Package blobfs serves immutable, content-addressed blobs through a
// read-through pager.
//
// A blob is identified by the root of a Merkle tree over its contents. Its
// bytes live in a backing object, either raw or as independently compressed
// chunks located through a seek table. Nothing is read eagerly: views of a
// blob page in aligned ranges on first access, and every block is checked
// against its Merkle leaf before it becomes visible. A range that fails
// verification surfaces as ErrDataIntegrity and is never installed.
//
// # Lifetime
//
// Each blob carries an open count with a purge bit. Opening a blob and
// creating views take references; purging a blob sets the bit. When the count
// reaches zero with the bit set, the blob queues its object with the
// graveyard exactly once, however opens, closes and purges interleave.
//
// # Quick Start
//
//	store, err := objstore.Open("/var/lib/blobfs")
//	if err != nil {
//	    return err
//	}
//	hash, err := store.Put(ctx, data, objstore.WithCompression(objstore.CompressAuto))
//	if err != nil {
//	    return err
//	}
//
//	p, err := pager.New()
//	if err != nil {
//	    return err
//	}
//	vol, err := blobfs.NewVolume(store, p)
//	if err != nil {
//	    return err
//	}
//	defer vol.Close()
//
//	opened, err := vol.Open(ctx, hash)
//	if err != nil {
//	    return err
//	}
//	defer opened.Close()
//	view, err := opened.CreateView()
//	if err != nil {
//	    return err
//	}
//	defer view.Close()
//	content, err := io.ReadAll(view)
package blobfs

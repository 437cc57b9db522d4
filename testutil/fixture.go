package testutil

import (
	"context"
	"io"
	"os"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/meigma/blobfs"
	"github.com/meigma/blobfs/merkle"
	"github.com/meigma/blobfs/objstore"
	"github.com/meigma/blobfs/pager"
)

// Fixture is a volume over a temporary local store. Tombstones are recorded
// by Graveyard rather than deleted.
type Fixture struct {
	t         testing.TB
	Store     *objstore.FS
	Pager     *pager.Pager
	Volume    *blobfs.Volume
	Graveyard *RecordingGraveyard
}

type fixtureConfig struct {
	pagerOpts  []pager.Option
	volumeOpts []blobfs.Option
}

// FixtureOption configures a Fixture.
type FixtureOption func(*fixtureConfig)

// WithPagerOptions passes opts to the fixture's pager.
func WithPagerOptions(opts ...pager.Option) FixtureOption {
	return func(c *fixtureConfig) {
		c.pagerOpts = append(c.pagerOpts, opts...)
	}
}

// WithVolumeOptions passes opts to the fixture's volume.
func WithVolumeOptions(opts ...blobfs.Option) FixtureOption {
	return func(c *fixtureConfig) {
		c.volumeOpts = append(c.volumeOpts, opts...)
	}
}

// NewFixture creates a fixture rooted at a test temp dir. The volume is closed
// when the test ends.
func NewFixture(t testing.TB, opts ...FixtureOption) *Fixture {
	t.Helper()
	var cfg fixtureConfig
	for _, opt := range opts {
		opt(&cfg)
	}

	store, err := objstore.Open(t.TempDir())
	require.NoError(t, err)
	p, err := pager.New(cfg.pagerOpts...)
	require.NoError(t, err)

	g := &RecordingGraveyard{}
	vol, err := blobfs.NewVolume(store, p, append([]blobfs.Option{blobfs.WithGraveyard(g)}, cfg.volumeOpts...)...)
	require.NoError(t, err)
	t.Cleanup(func() { _ = vol.Close() })

	return &Fixture{t: t, Store: store, Pager: p, Volume: vol, Graveyard: g}
}

// WriteBlob stores data and returns its content hash.
func (f *Fixture) WriteBlob(data []byte, opts ...objstore.PutOption) merkle.Hash {
	f.t.Helper()
	hash, err := f.Store.Put(context.Background(), data, opts...)
	require.NoError(f.t, err)
	return hash
}

// ObjectID returns the object holding the blob with the given hash.
func (f *Fixture) ObjectID(hash merkle.Hash) uint64 {
	f.t.Helper()
	rec, err := f.Store.Record(hash)
	require.NoError(f.t, err)
	return rec.ObjectID
}

// View opens the blob and creates a view. Both are closed when the test ends.
func (f *Fixture) View(hash merkle.Hash) (*blobfs.OpenedBlob, *pager.View) {
	f.t.Helper()
	opened, err := f.Volume.Open(context.Background(), hash)
	require.NoError(f.t, err)
	view, err := opened.CreateView()
	require.NoError(f.t, err)
	f.t.Cleanup(func() {
		_ = view.Close()
		_ = opened.Close()
	})
	return opened, view
}

// ReadBlob reads the whole blob through a fresh view.
func (f *Fixture) ReadBlob(hash merkle.Hash) []byte {
	f.t.Helper()
	opened, err := f.Volume.Open(context.Background(), hash)
	require.NoError(f.t, err)
	defer opened.Close()
	view, err := opened.CreateView()
	require.NoError(f.t, err)
	defer view.Close()

	data, err := io.ReadAll(view)
	require.NoError(f.t, err)
	return data
}

// CorruptObject overwrites the stored bytes of a blob's object at off.
func (f *Fixture) CorruptObject(hash merkle.Hash, off int64, data []byte) {
	f.t.Helper()
	path := f.Store.ObjectPath(f.ObjectID(hash))
	file, err := os.OpenFile(path, os.O_WRONLY, 0)
	require.NoError(f.t, err)
	defer file.Close()
	_, err = file.WriteAt(data, off)
	require.NoError(f.t, err)
}

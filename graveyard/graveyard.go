// Package graveyard deletes the storage of tombstoned objects in the
// background.
//
// Queued tombstones are recorded in a journal by the worker and removed once
// the object is gone, so a restart replays deletions that did not finish.
package graveyard

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"slices"
	"sync"

	"github.com/fxamacker/cbor/v2"
)

// Deleter releases the storage of one object.
type Deleter interface {
	DeleteObject(ctx context.Context, storeID, objectID uint64) error
}

// DeleterFunc adapts a function to Deleter.
type DeleterFunc func(ctx context.Context, storeID, objectID uint64) error

// DeleteObject calls f.
func (f DeleterFunc) DeleteObject(ctx context.Context, storeID, objectID uint64) error {
	return f(ctx, storeID, objectID)
}

// Entry identifies a tombstoned object.
type Entry struct {
	StoreID  uint64 `cbor:"1,keyasint"`
	ObjectID uint64 `cbor:"2,keyasint"`
}

const journalVersion = 1

type journalFile struct {
	Version uint32  `cbor:"1,keyasint"`
	Entries []Entry `cbor:"2,keyasint"`
}

var (
	encMode cbor.EncMode
	decMode cbor.DecMode
)

func init() {
	var err error
	encMode, err = cbor.CoreDetEncOptions().EncMode()
	if err != nil {
		panic("graveyard: CBOR encoder initialization failed: " + err.Error())
	}
	decMode, err = cbor.DecOptions{}.DecMode()
	if err != nil {
		panic("graveyard: CBOR decoder initialization failed: " + err.Error())
	}
}

// Graveyard queues tombstones and deletes them on a worker goroutine.
type Graveyard struct {
	deleter     Deleter
	journalPath string
	logger      *slog.Logger

	mu        sync.Mutex
	queue     []Entry
	journal   []Entry // entries not yet deleted, in queue order
	journaled uint64  // journal generation last written
	gen       uint64  // journal generation
	inflight  int
	closed    bool
	changed   chan struct{} // closed and replaced on every state change

	persistMu sync.Mutex // serializes journal writes

	cancel context.CancelFunc
	done   chan struct{}
}

// Option configures a Graveyard.
type Option func(*Graveyard)

// WithJournal persists pending tombstones at path. Without a journal,
// tombstones not yet deleted are lost on Close.
func WithJournal(path string) Option {
	return func(g *Graveyard) {
		g.journalPath = path
	}
}

// WithLogger sets the logger for deletions.
// If not set, logging is disabled.
func WithLogger(logger *slog.Logger) Option {
	return func(g *Graveyard) {
		g.logger = logger
	}
}

// New starts a graveyard. Tombstones left in an existing journal are queued
// again.
func New(deleter Deleter, opts ...Option) (*Graveyard, error) {
	if deleter == nil {
		return nil, errors.New("graveyard: deleter is nil")
	}
	g := &Graveyard{
		deleter: deleter,
		changed: make(chan struct{}),
		done:    make(chan struct{}),
	}
	for _, opt := range opts {
		opt(g)
	}
	if g.journalPath != "" {
		entries, err := loadJournal(g.journalPath)
		if err != nil {
			return nil, err
		}
		if len(entries) > 0 {
			g.log().Info("replaying tombstones", slog.Int("count", len(entries)))
		}
		g.queue = slices.Clone(entries)
		g.journal = entries
	}

	ctx, cancel := context.WithCancel(context.Background())
	g.cancel = cancel
	go g.run(ctx)
	return g, nil
}

func (g *Graveyard) log() *slog.Logger {
	if g.logger == nil {
		return slog.New(slog.DiscardHandler)
	}
	return g.logger
}

// QueueTombstone schedules an object for deletion. It does no I/O and does
// not wait for the deletion or the journal write. Tombstones queued after
// Close are journaled in the background but not deleted until the next start.
func (g *Graveyard) QueueTombstone(storeID, objectID uint64) {
	e := Entry{StoreID: storeID, ObjectID: objectID}
	g.mu.Lock()
	defer g.mu.Unlock()
	g.journal = append(g.journal, e)
	g.touchLocked()
	if g.closed {
		go g.persist()
		return
	}
	g.queue = append(g.queue, e)
	g.notifyLocked()
}

// Pending returns the tombstones not yet deleted.
func (g *Graveyard) Pending() []Entry {
	g.mu.Lock()
	defer g.mu.Unlock()
	return slices.Clone(g.journal)
}

// Flush waits until every queued tombstone has been processed and the journal
// written. Deletions that failed stay journaled.
func (g *Graveyard) Flush(ctx context.Context) error {
	for {
		g.mu.Lock()
		if len(g.queue) == 0 && g.inflight == 0 && g.journaled == g.gen {
			g.mu.Unlock()
			return nil
		}
		if g.closed {
			g.mu.Unlock()
			return errors.New("graveyard: closed")
		}
		ch := g.changed
		g.mu.Unlock()

		select {
		case <-ch:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// Close stops the worker. Tombstones not yet deleted remain in the journal.
// Close is idempotent.
func (g *Graveyard) Close() error {
	g.mu.Lock()
	if g.closed {
		g.mu.Unlock()
		return nil
	}
	g.closed = true
	g.queue = nil
	g.notifyLocked()
	g.mu.Unlock()

	g.cancel()
	<-g.done
	g.persist()
	return nil
}

func (g *Graveyard) run(ctx context.Context) {
	defer close(g.done)
	for {
		g.mu.Lock()
		for len(g.queue) == 0 && g.journaled == g.gen {
			if g.closed {
				g.mu.Unlock()
				return
			}
			ch := g.changed
			g.mu.Unlock()
			<-ch
			g.mu.Lock()
		}
		if g.journaled != g.gen {
			g.mu.Unlock()
			g.persist()
			continue
		}
		e := g.queue[0]
		g.queue = g.queue[1:]
		g.inflight++
		g.mu.Unlock()

		err := g.deleter.DeleteObject(ctx, e.StoreID, e.ObjectID)

		g.mu.Lock()
		g.inflight--
		if err != nil {
			g.log().Warn("delete tombstoned object failed",
				slog.Uint64("store", e.StoreID),
				slog.Uint64("object", e.ObjectID),
				slog.Any("error", err))
		} else {
			if i := slices.Index(g.journal, e); i >= 0 {
				g.journal = slices.Delete(g.journal, i, i+1)
				g.touchLocked()
			}
			g.log().Debug("deleted tombstoned object",
				slog.Uint64("store", e.StoreID),
				slog.Uint64("object", e.ObjectID))
		}
		g.notifyLocked()
		g.mu.Unlock()
	}
}

func (g *Graveyard) notifyLocked() {
	close(g.changed)
	g.changed = make(chan struct{})
}

// touchLocked records a journal change for the worker to write.
func (g *Graveyard) touchLocked() {
	if g.journalPath != "" {
		g.gen++
	}
}

// persist writes the current journal if it changed since the last write. A
// failed write is logged and not retried until the journal changes again.
func (g *Graveyard) persist() {
	g.persistMu.Lock()
	defer g.persistMu.Unlock()

	g.mu.Lock()
	gen := g.gen
	if gen == g.journaled {
		g.mu.Unlock()
		return
	}
	entries := slices.Clone(g.journal)
	g.mu.Unlock()

	if err := writeJournal(g.journalPath, entries); err != nil {
		g.log().Error("write journal failed", slog.Int("entries", len(entries)), slog.Any("error", err))
	}

	g.mu.Lock()
	g.journaled = gen
	g.notifyLocked()
	g.mu.Unlock()
}

func writeJournal(path string, entries []Entry) error {
	data, err := encMode.Marshal(journalFile{Version: journalVersion, Entries: entries})
	if err != nil {
		return fmt.Errorf("encode journal: %w", err)
	}
	tmp, err := os.CreateTemp(filepath.Dir(path), ".journal-*")
	if err != nil {
		return err
	}
	tmpPath := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		_ = os.Remove(tmpPath)
		return err
	}
	if err := tmp.Close(); err != nil {
		_ = os.Remove(tmpPath)
		return err
	}
	if err := os.Rename(tmpPath, path); err != nil {
		_ = os.Remove(tmpPath)
		return err
	}
	return nil
}

func loadJournal(path string) ([]Entry, error) {
	data, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("graveyard: read journal: %w", err)
	}
	var jf journalFile
	if err := decMode.Unmarshal(data, &jf); err != nil {
		return nil, fmt.Errorf("graveyard: decode journal: %w", err)
	}
	if jf.Version != journalVersion {
		return nil, fmt.Errorf("graveyard: unsupported journal version %d", jf.Version)
	}
	return jf.Entries, nil
}

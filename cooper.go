// Package cooper is an embeddable full-text search and secondary-index
// engine. Documents are bags of (field, term-stream) pairs keyed by a
// monotone id; term postings persist into on-disk barrels that a
// background worker merges while readers keep serving snapshots. A
// typed B-tree index answers range, prefix and suffix queries over
// scalar and string field values.
package cooper

import (
	"bytes"
	"log"
	"path/filepath"
	"strings"
	"sync"

	"github.com/robfig/cron/v3"
	"golang.org/x/sync/errgroup"
	"golang.org/x/xerrors"

	"github.com/gocooper/cooper/bitvector"
	"github.com/gocooper/cooper/internal/barrel"
	"github.com/gocooper/cooper/internal/btree"
	"github.com/gocooper/cooper/internal/manifest"
	"github.com/gocooper/cooper/internal/posting"
	"github.com/gocooper/cooper/internal/store"
)

// deletedFileName is the sidecar holding the union of all per-barrel
// deletion bitvectors.
const deletedFileName = "deleted.bv"

// delFlushInterval is how many deletions may accumulate before the
// sidecars are rewritten.
const delFlushInterval = 128

// Index is one search index. All methods are safe for concurrent use:
// writes serialize through an internal mutex, reads go through
// point-in-time snapshots (see Reader).
type Index struct {
	cfg      Config
	dir      store.Directory
	popts    posting.Options
	realtime bool

	mu      sync.Mutex // guards info, mem*, handles, closed
	info    *manifest.BarrelsInfo
	handles map[string]*barrelHandle
	gen     uint64
	closed  bool

	// State of the in-memory barrel being built.
	mem        *barrel.MemBarrel
	memBase    map[uint16]uint32
	memUpdates bool

	// Per-barrel deletion bitvectors, guarded separately so that
	// readers can snapshot them without taking the writer mutex.
	delMu    sync.RWMutex
	deletes  map[string]*bitvector.BitVector
	delDirty int

	bt    *btree.Indexer
	sched *mergeScheduler
	cron  *cron.Cron
}

// barrelHandle reference-counts one sealed barrel. The manifest carries
// weak, name-based references; handles make sure files outlive every
// snapshot that still reads them.
type barrelHandle struct {
	name string
	info manifest.BarrelInfo

	mu     sync.Mutex
	refs   int
	doomed bool // unlink files once refs drops to zero
	tr     *barrel.TermReader
	trErr  error
}

func (h *barrelHandle) acquire() {
	h.mu.Lock()
	h.refs++
	h.mu.Unlock()
}

// release drops one reference and reports whether the files should be
// unlinked now.
func (h *barrelHandle) release() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.refs--
	return h.doomed && h.refs == 0
}

func (h *barrelHandle) reader() (*barrel.TermReader, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.tr, h.trErr
}

// Open opens or creates the index described by cfg.
func Open(cfg Config) (*Index, error) {
	cfg = cfg.withDefaults()
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	var (
		dir store.Directory
		bt  *btree.Indexer
		err error
	)
	if cfg.InMemory {
		dir = store.OpenRAM()
		bt, err = btree.OpenMemory(cfg.BTreeCacheEntries)
	} else {
		dir, err = store.OpenFS(cfg.Location, cfg.Mmap)
		if err == nil {
			bt, err = btree.Open(filepath.Join(cfg.Location, "btree"), cfg.BTreeCacheEntries)
		}
	}
	if err != nil {
		return nil, err
	}

	info, err := manifest.Read(dir)
	if err != nil {
		bt.Close()
		return nil, err
	}
	_, realtime, _ := cfg.postingMode()
	ix := &Index{
		cfg:      cfg,
		dir:      dir,
		popts:    cfg.postingOptions(),
		realtime: realtime,
		info:     info,
		handles:  make(map[string]*barrelHandle),
		deletes:  make(map[string]*bitvector.BitVector),
		bt:       bt,
	}

	if err := ix.collectOrphans(); err != nil {
		log.Printf("cooper: collecting orphan files: %v", err)
	}

	// Open every live barrel up front: a corrupt barrel must surface
	// here, not on the first query that happens to touch it.
	for _, b := range info.Barrels {
		h := &barrelHandle{name: b.Name, info: b}
		h.tr, h.trErr = barrel.OpenTermReader(dir, b.Name, ix.popts)
		if h.trErr != nil {
			ix.closeHandles()
			bt.Close()
			return nil, xerrors.Errorf("cooper: opening barrel %s: %w", b.Name, h.trErr)
		}
		ix.handles[b.Name] = h
		if err := ix.loadDeletes(b.Name); err != nil {
			ix.closeHandles()
			bt.Close()
			return nil, err
		}
	}

	ix.sched = newMergeScheduler(ix)
	ix.sched.run()

	if cfg.OptimizeSchedule != "" {
		ix.cron = cron.New()
		if _, err := ix.cron.AddFunc(cfg.OptimizeSchedule, func() {
			if err := ix.Optimize(); err != nil {
				log.Printf("cooper: scheduled optimize: %v", err)
			}
		}); err != nil {
			ix.sched.stop()
			ix.closeHandles()
			bt.Close()
			return nil, xerrors.Errorf("optimize schedule %q: %v: %w", cfg.OptimizeSchedule, err, ErrConfig)
		}
		ix.cron.Start()
	}
	return ix, nil
}

// collectOrphans removes barrel files left behind by a crash between
// writing new files and the manifest rename. Anything shaped like a
// barrel file whose stem the manifest does not reference is garbage.
func (ix *Index) collectOrphans() error {
	names, err := ix.dir.List()
	if err != nil {
		return err
	}
	live := make(map[string]bool)
	for _, b := range ix.info.Barrels {
		live[b.Name] = true
	}
	for _, f := range names {
		ext := filepath.Ext(f)
		stem := strings.TrimSuffix(f, ext)
		switch ext {
		case ".voc", ".dfp", ".pop", ".fdi", ".skp", ".del":
		default:
			continue
		}
		if !strings.HasPrefix(stem, "_") || live[stem] {
			continue
		}
		log.Printf("cooper: removing orphan %s", f)
		if err := ix.dir.Delete(f); err != nil {
			return err
		}
	}
	return nil
}

func (ix *Index) closeHandles() {
	for _, h := range ix.handles {
		if h.tr != nil {
			h.tr.Close()
		}
	}
}

// Close flushes pending state and shuts the merge worker down, waiting
// for an in-progress merge to finish. The index must not be used
// afterwards.
func (ix *Index) Close() error {
	ix.mu.Lock()
	if ix.closed {
		ix.mu.Unlock()
		return ErrClosed
	}
	flushErr := ix.flushLocked()
	ix.closed = true
	ix.mu.Unlock()

	if ix.cron != nil {
		ix.cron.Stop()
	}
	ix.sched.stop()

	if err := ix.writeDeletes(); err != nil && flushErr == nil {
		flushErr = err
	}
	if err := ix.bt.Close(); err != nil && flushErr == nil {
		flushErr = err
	}
	ix.mu.Lock()
	ix.closeHandles()
	ix.mu.Unlock()
	if err := ix.dir.Close(); err != nil && flushErr == nil {
		flushErr = err
	}
	return flushErr
}

// loadDeletes reads a barrel's deletion sidecar if one exists.
func (ix *Index) loadDeletes(name string) error {
	ok, err := ix.dir.Exists(name + ".del")
	if err != nil || !ok {
		return err
	}
	in, err := ix.dir.OpenInput(name + ".del")
	if err != nil {
		return err
	}
	defer in.Close()
	v, err := bitvector.Read(store.NewCursor(in))
	if err != nil {
		return xerrors.Errorf("cooper: %s.del: %v: %w", name, err, ErrCorrupt)
	}
	ix.delMu.Lock()
	ix.deletes[name] = v
	ix.delMu.Unlock()
	return nil
}

// writeDeletes persists every per-barrel deletion bitvector and the
// union sidecar.
func (ix *Index) writeDeletes() error {
	ix.delMu.Lock()
	union := bitvector.New(0)
	snap := make(map[string]*bitvector.BitVector, len(ix.deletes))
	for name, v := range ix.deletes {
		snap[name] = v.Clone()
		union.Union(v)
	}
	ix.delDirty = 0
	ix.delMu.Unlock()

	var g errgroup.Group
	for name, v := range snap {
		if !v.Any() {
			continue
		}
		name, v := name, v
		g.Go(func() error {
			var buf bytes.Buffer
			if _, err := v.WriteTo(&buf); err != nil {
				return err
			}
			return store.WriteFileAtomic(ix.dir, name+".del", buf.Bytes())
		})
	}
	g.Go(func() error {
		var buf bytes.Buffer
		if _, err := union.WriteTo(&buf); err != nil {
			return err
		}
		return store.WriteFileAtomic(ix.dir, deletedFileName, buf.Bytes())
	})
	return g.Wait()
}

// deletedUnion returns one bitvector covering every deletion.
func (ix *Index) deletedUnion() *bitvector.BitVector {
	ix.delMu.RLock()
	defer ix.delMu.RUnlock()
	union := bitvector.New(0)
	for _, v := range ix.deletes {
		union.Union(v)
	}
	return union
}

// BarrelCount returns the number of sealed barrels.
func (ix *Index) BarrelCount() int {
	ix.mu.Lock()
	defer ix.mu.Unlock()
	return len(ix.info.Barrels)
}

// DocCount returns the number of live documents across all sealed
// barrels.
func (ix *Index) DocCount() uint32 {
	ix.mu.Lock()
	total := ix.info.DocCount()
	ix.mu.Unlock()
	deleted := uint32(ix.deletedUnion().Count())
	if deleted > total {
		return 0
	}
	return total - deleted
}

// MaxDocID returns the largest document id added so far, whether sealed
// or still in the in-memory barrel.
func (ix *Index) MaxDocID() uint32 {
	ix.mu.Lock()
	defer ix.mu.Unlock()
	max := ix.info.MaxDocID()
	if ix.mem != nil && ix.mem.MaxDoc() > max {
		max = ix.mem.MaxDoc()
	}
	return max
}

// Optimize schedules a full merge down to a single barrel and returns
// without waiting; use WaitForMerge to block until compaction is done.
func (ix *Index) Optimize() error {
	ix.mu.Lock()
	if ix.closed {
		ix.mu.Unlock()
		return ErrClosed
	}
	err := ix.flushLocked()
	ix.mu.Unlock()
	if err != nil {
		return err
	}
	if ix.sched.degradedState() {
		return xerrors.Errorf("merge worker disabled after repeated failures: %w", ErrBusy)
	}
	ix.sched.offerOptimize()
	return nil
}

// WaitForMerge blocks until the merge worker has drained its queue and
// no merge is running.
func (ix *Index) WaitForMerge() {
	ix.sched.wait()
}

// PauseMerge stops new merges from starting; a merge already running
// completes. ResumeMerge undoes it.
func (ix *Index) PauseMerge() { ix.sched.pause() }

// ResumeMerge re-enables background merging.
func (ix *Index) ResumeMerge() { ix.sched.resume() }

// Degraded reports whether background merging has been disabled after
// repeated failures. Queries keep working against the unmerged barrels.
func (ix *Index) Degraded() bool { return ix.sched.degradedState() }

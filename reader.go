package cooper

import (
	"sort"

	"golang.org/x/xerrors"

	"github.com/gocooper/cooper/bitvector"
	"github.com/gocooper/cooper/internal/barrel"
	"github.com/gocooper/cooper/internal/manifest"
	"github.com/gocooper/cooper/internal/posting"
)

// PostingIterator walks one term's documents in ascending id order.
// Doc and Freq are valid after Next or SkipTo report a document;
// NextPosition lazily drains up to Freq positions per document.
type PostingIterator interface {
	DocFreq() uint32
	CollectionTermFreq() uint64
	Next() (bool, error)
	Doc() uint32
	Freq() uint32
	NextPosition() (pos uint32, ok bool, err error)
	SkipTo(target uint32) (doc uint32, ok bool, err error)
	Close() error
}

// Reader is a point-in-time view of the index: a manifest snapshot,
// the per-barrel deletion state at snapshot time and, in realtime mode,
// the unsealed in-memory barrel. Readers are cheap; take a fresh one
// (or Reopen) to observe later writes.
type Reader struct {
	ix      *Index
	info    *manifest.BarrelsInfo
	handles []*barrelHandle // oldest first, matching manifest order
	deletes map[string]*bitvector.BitVector
	mem     *barrel.MemBarrel
	gen     uint64
	closed  bool
}

// Reader returns a snapshot of the current index state.
func (ix *Index) Reader() (*Reader, error) {
	ix.mu.Lock()
	defer ix.mu.Unlock()
	if ix.closed {
		return nil, ErrClosed
	}
	return ix.readerLocked(), nil
}

func (ix *Index) readerLocked() *Reader {
	r := &Reader{
		ix:   ix,
		info: ix.info.Clone(),
		gen:  ix.gen,
	}
	for _, b := range ix.info.Barrels {
		h := ix.handles[b.Name]
		h.acquire()
		r.handles = append(r.handles, h)
	}
	ix.delMu.RLock()
	r.deletes = make(map[string]*bitvector.BitVector, len(ix.deletes))
	for name, v := range ix.deletes {
		r.deletes[name] = v.Clone()
	}
	ix.delMu.RUnlock()
	if ix.realtime {
		r.mem = ix.mem
	}
	return r
}

// Close releases the snapshot. Barrels retired by a merge while this
// reader held them are unlinked once the last holder lets go.
func (r *Reader) Close() error {
	if r.closed {
		return nil
	}
	r.closed = true
	for _, h := range r.handles {
		if h.release() {
			r.ix.unlinkBarrel(h)
		}
	}
	return nil
}

// Reopen returns the freshest view: the receiver itself when nothing
// changed, otherwise a new snapshot (the receiver is closed then).
func (r *Reader) Reopen() (*Reader, error) {
	r.ix.mu.Lock()
	if r.ix.closed {
		r.ix.mu.Unlock()
		return nil, ErrClosed
	}
	if r.gen == r.ix.gen && !r.closed {
		r.ix.mu.Unlock()
		return r, nil
	}
	nr := r.ix.readerLocked()
	r.ix.mu.Unlock()
	r.Close()
	return nr, nil
}

// DocCount returns the number of live documents in the snapshot.
func (r *Reader) DocCount() uint32 {
	total := r.info.DocCount()
	if r.mem != nil {
		total += r.mem.NumDocs()
	}
	union := bitvector.New(0)
	for _, v := range r.deletes {
		union.Union(v)
	}
	deleted := uint32(union.Count())
	if deleted > total {
		return 0
	}
	return total - deleted
}

// MaxDocID returns the largest document id visible in the snapshot.
func (r *Reader) MaxDocID() uint32 {
	max := r.info.MaxDocID()
	if r.mem != nil && r.mem.MaxDoc() > max {
		max = r.mem.MaxDoc()
	}
	return max
}

// BarrelCount returns the number of sealed barrels in the snapshot.
func (r *Reader) BarrelCount() int { return len(r.info.Barrels) }

// TermDocs returns an iterator over every live document containing the
// term, concatenating all barrels in doc id order. Overlapping ids from
// updated documents resolve to the newest copy; deletions are filtered
// on the fly. An absent term yields an empty iterator.
func (r *Reader) TermDocs(field uint16, term uint32) (PostingIterator, error) {
	if r.closed {
		return nil, xerrors.New("cooper: reader closed")
	}
	inputs := make([]posting.Input, 0, len(r.handles)+1)
	for _, h := range r.handles {
		tr, err := h.reader()
		if err != nil {
			return nil, xerrors.Errorf("cooper: barrel %s quarantined: %v: %w", h.name, err, ErrCorrupt)
		}
		it, ok, err := tr.TermDocs(field, term)
		if err != nil {
			return nil, err
		}
		if !ok {
			continue
		}
		del := r.deletes[h.name]
		inputs = append(inputs, posting.Input{It: it, Deleted: del.Test})
	}
	if r.mem != nil {
		if it, ok := r.mem.TermDocs(field, term); ok {
			inputs = append(inputs, posting.Input{It: it})
		}
	}
	return posting.NewMergedInputs(inputs), nil
}

// TermPositions is TermDocs; the returned iterator already serves
// positions lazily.
func (r *Reader) TermPositions(field uint16, term uint32) (PostingIterator, error) {
	return r.TermDocs(field, term)
}

// DocFreq sums the term's document frequency over the snapshot.
func (r *Reader) DocFreq(field uint16, term uint32) (uint32, error) {
	if r.closed {
		return 0, xerrors.New("cooper: reader closed")
	}
	var sum uint32
	for _, h := range r.handles {
		tr, err := h.reader()
		if err != nil {
			return 0, xerrors.Errorf("cooper: barrel %s quarantined: %v: %w", h.name, err, ErrCorrupt)
		}
		sum += tr.DocFreq(field, term)
	}
	return sum, nil
}

// Terms lists the distinct term ids of a field across the snapshot's
// barrels, ascending.
func (r *Reader) Terms(field uint16) []uint32 {
	seen := make(map[uint32]bool)
	for _, h := range r.handles {
		tr, err := h.reader()
		if err != nil {
			continue
		}
		it := tr.Terms(field)
		for it.Next() {
			seen[it.Term()] = true
		}
	}
	terms := make([]uint32, 0, len(seen))
	for t := range seen {
		terms = append(terms, t)
	}
	sort.Slice(terms, func(i, j int) bool { return terms[i] < terms[j] })
	return terms
}

// Fields lists the fields present in the snapshot, sorted by id.
func (r *Reader) Fields() []uint16 {
	seen := make(map[uint16]bool)
	for _, h := range r.handles {
		tr, err := h.reader()
		if err != nil {
			continue
		}
		for _, f := range tr.Fields() {
			seen[f.ID] = true
		}
	}
	ids := make([]uint16, 0, len(seen))
	for id := range seen {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}

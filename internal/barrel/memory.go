package barrel

import (
	"sort"
	"sync"

	"github.com/gocooper/cooper/internal/posting"
)

// MemBarrel is the barrel being built by the writer. It accumulates one
// posting per (field, term) in arena-backed memory and can serve term
// lookups before being sealed, which is what the realtime index mode
// relies on.
type MemBarrel struct {
	// mu lets realtime lookups run against the barrel while the writer
	// keeps appending; the writer path takes it for whole documents.
	mu     sync.Mutex
	arena  *posting.Arena
	fields map[uint16]*memField

	numDocs uint32
	maxDoc  uint32
}

type memField struct {
	name  string
	terms map[uint32]*posting.InMemoryPosting
}

// NewMemBarrel returns an empty in-memory barrel.
func NewMemBarrel() *MemBarrel {
	return &MemBarrel{
		arena:  posting.NewArena(0),
		fields: make(map[uint16]*memField),
	}
}

// AddOccurrence records one term occurrence. Documents must arrive in
// ascending id order; the engine serializes calls through the writer
// mutex.
func (b *MemBarrel) AddOccurrence(field uint16, fieldName string, term, doc, pos uint32) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	f, ok := b.fields[field]
	if !ok {
		f = &memField{name: fieldName, terms: make(map[uint32]*posting.InMemoryPosting)}
		b.fields[field] = f
	}
	p, ok := f.terms[term]
	if !ok {
		p = posting.NewInMemory(b.arena)
		f.terms[term] = p
	}
	if err := p.Add(doc, pos); err != nil {
		return err
	}
	if doc > b.maxDoc {
		b.maxDoc = doc
	}
	return nil
}

// DocAdded records that one document finished indexing.
func (b *MemBarrel) DocAdded() {
	b.mu.Lock()
	b.numDocs++
	b.mu.Unlock()
}

// NumDocs returns the number of documents added so far.
func (b *MemBarrel) NumDocs() uint32 {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.numDocs
}

// MaxDoc returns the largest doc id seen.
func (b *MemBarrel) MaxDoc() uint32 {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.maxDoc
}

// MemoryUsed returns the arena bytes consumed; the writer flushes when
// this crosses its budget.
func (b *MemBarrel) MemoryUsed() int64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.arena.Used()
}

// Empty reports whether any occurrence has been recorded.
func (b *MemBarrel) Empty() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.fields) == 0
}

// TermDocs serves a realtime lookup against the unsealed barrel. The
// returned iterator is a snapshot: appends after the call do not show.
func (b *MemBarrel) TermDocs(field uint16, term uint32) (posting.Iterator, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	f, ok := b.fields[field]
	if !ok {
		return nil, false
	}
	p, ok := f.terms[term]
	if !ok {
		return nil, false
	}
	return p.Iterator(), true
}

// WriteTo seals the barrel's contents into w: fields in ascending id
// order, terms sorted within each field.
func (b *MemBarrel) WriteTo(w *Writer) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	fieldIDs := make([]int, 0, len(b.fields))
	for id := range b.fields {
		fieldIDs = append(fieldIDs, int(id))
	}
	sort.Ints(fieldIDs)
	for _, id := range fieldIDs {
		f := b.fields[uint16(id)]
		if err := w.BeginField(uint16(id), f.name); err != nil {
			return err
		}
		termIDs := make([]uint32, 0, len(f.terms))
		for t := range f.terms {
			termIDs = append(termIDs, t)
		}
		sort.Slice(termIDs, func(i, j int) bool { return termIDs[i] < termIDs[j] })
		for _, t := range termIDs {
			if err := w.AddTerm(t, f.terms[t].Iterator()); err != nil {
				return err
			}
		}
		if err := w.EndField(); err != nil {
			return err
		}
	}
	return nil
}

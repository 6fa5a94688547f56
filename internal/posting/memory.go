package posting

import "golang.org/x/xerrors"

// InMemoryPosting accumulates a term's documents while the in-memory
// barrel is being built. Occurrences arrive through Add in ascending
// (doc, position) order; the doc/freq stream and the position stream are
// encoded incrementally into arena chunks so that resident size tracks
// the final on-disk size closely.
type InMemoryPosting struct {
	df  uint32
	ctf uint64

	docStream chunkStream // (docid gap, freq) pairs
	posStream chunkStream // position gaps, base reset per doc

	lastDoc uint32
	curDoc  uint32
	curFreq uint32
	lastPos uint32
	started bool
	open    bool // a document is being accumulated
}

// NewInMemory returns an empty posting drawing memory from a.
func NewInMemory(a *Arena) *InMemoryPosting {
	return &InMemoryPosting{
		docStream: chunkStream{arena: a},
		posStream: chunkStream{arena: a},
	}
}

// Add records one occurrence of the term at pos within doc. Documents
// must arrive in ascending order and positions in strictly ascending
// order within a document.
func (p *InMemoryPosting) Add(doc, pos uint32) error {
	if p.open && doc == p.curDoc {
		if pos <= p.lastPos {
			return xerrors.Errorf("posting: position %d after %d in doc %d is not increasing", pos, p.lastPos, doc)
		}
		p.posStream.putUint32(pos - p.lastPos)
		p.lastPos = pos
		p.curFreq++
		p.ctf++
		return nil
	}
	if (p.started || p.open) && doc <= p.lastDocWritten() {
		return xerrors.Errorf("posting: doc %d arrived after %d", doc, p.lastDocWritten())
	}
	p.finishDoc()
	p.curDoc = doc
	p.curFreq = 1
	p.lastPos = pos
	p.open = true
	p.ctf++
	p.posStream.putUint32(pos)
	return nil
}

func (p *InMemoryPosting) lastDocWritten() uint32 {
	if p.open {
		return p.curDoc
	}
	return p.lastDoc
}

// finishDoc seals the document being accumulated, emitting its
// (gap, freq) pair.
func (p *InMemoryPosting) finishDoc() {
	if !p.open {
		return
	}
	if !p.started {
		p.docStream.putUint32(p.curDoc)
		p.started = true
	} else {
		p.docStream.putUint32(p.curDoc - p.lastDoc - 1)
	}
	p.docStream.putUint32(p.curFreq)
	p.lastDoc = p.curDoc
	p.df++
	p.open = false
}

// DocFreq returns the number of sealed documents plus the one in
// progress.
func (p *InMemoryPosting) DocFreq() uint32 {
	if p.open {
		return p.df + 1
	}
	return p.df
}

// CollectionTermFreq returns the total occurrence count.
func (p *InMemoryPosting) CollectionTermFreq() uint64 { return p.ctf }

// Iterator returns a snapshot iterator over everything added so far.
// The writer may keep appending; the snapshot is unaffected.
func (p *InMemoryPosting) Iterator() Iterator {
	p.finishDoc()
	return &memIterator{
		df:   p.df,
		ctf:  p.ctf,
		docs: p.docStream.reader(),
		pos:  p.posStream.reader(),
	}
}

type memIterator struct {
	df  uint32
	ctf uint64

	docs *streamReader
	pos  *streamReader

	read    uint32 // documents consumed
	doc     uint32
	freq    uint32
	started bool

	posLeft    uint32 // undecoded positions of current doc
	posPending uint64 // positions of skipped docs not yet drained
	lastPos    uint32
}

func (it *memIterator) DocFreq() uint32            { return it.df }
func (it *memIterator) CollectionTermFreq() uint64 { return it.ctf }
func (it *memIterator) Doc() uint32                { return it.doc }
func (it *memIterator) Freq() uint32               { return it.freq }
func (it *memIterator) Close() error               { return nil }

func (it *memIterator) Next() (bool, error) {
	if it.read >= it.df {
		return false, nil
	}
	it.posPending += uint64(it.posLeft)
	gap, ok := it.docs.uint32()
	if !ok {
		return false, xerrors.Errorf("posting: doc stream truncated at doc %d/%d: %w", it.read, it.df, errCorrupt)
	}
	freq, ok := it.docs.uint32()
	if !ok {
		return false, xerrors.Errorf("posting: freq missing at doc %d/%d: %w", it.read, it.df, errCorrupt)
	}
	if !it.started {
		it.doc = gap
		it.started = true
	} else {
		it.doc += gap + 1
	}
	it.freq = freq
	it.read++
	it.posLeft = freq
	it.lastPos = 0
	return true, nil
}

func (it *memIterator) NextPosition() (uint32, bool, error) {
	if it.posLeft == 0 {
		return 0, false, nil
	}
	for it.posPending > 0 {
		if _, ok := it.pos.uint32(); !ok {
			return 0, false, xerrors.Errorf("posting: position stream truncated: %w", errCorrupt)
		}
		it.posPending--
	}
	gap, ok := it.pos.uint32()
	if !ok {
		return 0, false, xerrors.Errorf("posting: position stream truncated: %w", errCorrupt)
	}
	if it.lastPos == 0 && it.posLeft == it.freq {
		it.lastPos = gap
	} else {
		it.lastPos += gap
	}
	it.posLeft--
	return it.lastPos, true, nil
}

func (it *memIterator) SkipTo(target uint32) (uint32, bool, error) {
	if it.started && it.doc >= target {
		return it.doc, true, nil
	}
	for {
		ok, err := it.Next()
		if err != nil || !ok {
			return 0, false, err
		}
		if it.doc >= target {
			return it.doc, true, nil
		}
	}
}

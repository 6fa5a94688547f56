package posting

import (
	"golang.org/x/xerrors"

	"github.com/gocooper/cooper/internal/store"
	"github.com/gocooper/cooper/internal/vbyte"
)

// Record locates one posting within the barrel streams. RecordEnd is the
// offset just past the posting's trailing offsets in the doc stream;
// the dictionary derives it from the next term's DfpOffset (or the
// stream size for the last term).
type Record struct {
	DfpOffset int64
	RecordEnd int64
	DocFreq   uint32
}

// OpenDisk returns an iterator over a posting stored in the given
// streams. The iterator takes ownership of all three cursors.
func OpenDisk(dfp, pop, skp *store.Cursor, rec Record, opts Options) (Iterator, error) {
	if rec.RecordEnd <= rec.DfpOffset || rec.RecordEnd > dfp.Size() {
		return nil, xerrors.Errorf("posting: record [%d, %d) outside doc stream of %d bytes: %w",
			rec.DfpOffset, rec.RecordEnd, dfp.Size(), errCorrupt)
	}
	tailLen := int64(2 * vbyte.MaxLen64)
	if max := rec.RecordEnd - rec.DfpOffset; tailLen > max {
		tailLen = max
	}
	tail := make([]byte, tailLen)
	dfp.Seek(rec.RecordEnd - tailLen)
	if err := dfp.ReadFull(tail); err != nil {
		return nil, err
	}
	popOff, skipOff, n, err := parseTrailing(tail)
	if err != nil {
		return nil, err
	}
	if int64(popOff) > pop.Size() || int64(skipOff) > skp.Size() {
		return nil, xerrors.Errorf("posting: stream offsets (pop %d, skip %d) past end: %w", popOff, skipOff, errCorrupt)
	}
	base := diskBase{
		dfp: dfp, pop: pop, skp: skp,
		opts:       opts,
		df:         rec.DocFreq,
		dfpStart:   rec.DfpOffset,
		entriesEnd: rec.RecordEnd - int64(n),
		popStart:   int64(popOff),
		skipOff:    int64(skipOff),
	}
	dfp.Seek(rec.DfpOffset)
	pop.Seek(base.popStart)
	if opts.Format == FormatBlock {
		return &blockIterator{diskBase: base}, nil
	}
	return &vbyteIterator{diskBase: base}, nil
}

// diskBase carries the state shared by both on-disk iterator kinds:
// stream cursors, iteration progress, and the lazy position decoder.
type diskBase struct {
	dfp *store.Cursor
	pop *store.Cursor
	skp *store.Cursor

	opts       Options
	df         uint32
	dfpStart   int64
	entriesEnd int64
	popStart   int64
	skipOff    int64

	read    uint32
	doc     uint32
	freq    uint32
	started bool

	posLeft    uint32
	posPending uint64
	posFirst   bool
	lastPos    uint32

	ctf    uint64
	ctfSet bool
}

func (b *diskBase) DocFreq() uint32 { return b.df }
func (b *diskBase) Doc() uint32     { return b.doc }
func (b *diskBase) Freq() uint32    { return b.freq }

func (b *diskBase) Close() error {
	b.dfp.Close()
	b.pop.Close()
	return b.skp.Close()
}

// startDoc resets per-document position state, deferring any undrained
// positions of the previous document.
func (b *diskBase) startDoc(freq uint32) {
	b.posPending += uint64(b.posLeft)
	b.posLeft = freq
	b.posFirst = true
	b.lastPos = 0
}

func (b *diskBase) NextPosition() (uint32, bool, error) {
	if b.posLeft == 0 {
		return 0, false, nil
	}
	for b.posPending > 0 {
		if _, err := vbyte.ReadUint32(b.pop); err != nil {
			return 0, false, xerrors.Errorf("posting: position stream: %w", err)
		}
		b.posPending--
	}
	gap, err := vbyte.ReadUint32(b.pop)
	if err != nil {
		return 0, false, xerrors.Errorf("posting: position stream: %w", err)
	}
	if b.posFirst {
		b.lastPos = gap
		b.posFirst = false
	} else {
		b.lastPos += gap
	}
	b.posLeft--
	return b.lastPos, true, nil
}

// loadSkip reads the skip record for this posting from the skip stream.
func (b *diskBase) loadSkip() ([]byte, error) {
	b.skp.Seek(b.skipOff)
	head, err := b.skp.ReadByte()
	if err != nil {
		return nil, xerrors.Errorf("posting: skip record: %w", err)
	}
	n := int(head)
	sizes := make([]int64, n)
	hdr := []byte{head}
	total := int64(0)
	for i := 0; i < n; i++ {
		v, err := vbyte.ReadUint64(b.skp)
		if err != nil {
			return nil, xerrors.Errorf("posting: skip record header: %w", err)
		}
		hdr = vbyte.PutUint64(hdr, v)
		sizes[i] = int64(v)
		total += int64(v)
	}
	if total > b.skp.Size() {
		return nil, xerrors.Errorf("posting: skip record of %d bytes overruns stream: %w", total, errCorrupt)
	}
	data := make([]byte, total)
	if err := b.skp.ReadFull(data); err != nil {
		return nil, err
	}
	return append(hdr, data...), nil
}

// vbyteIterator reads the byte-aligned format with a multi-level skip
// list.
type vbyteIterator struct {
	diskBase
	skip *skipReader
}

func (it *vbyteIterator) Next() (bool, error) {
	if it.read >= it.df {
		return false, nil
	}
	if it.dfp.Offset() >= it.entriesEnd {
		return false, xerrors.Errorf("posting: doc stream exhausted after %d of %d docs: %w", it.read, it.df, errCorrupt)
	}
	gap, err := vbyte.ReadUint32(it.dfp)
	if err != nil {
		return false, xerrors.Errorf("posting: doc stream: %w", err)
	}
	freq, err := vbyte.ReadUint32(it.dfp)
	if err != nil {
		return false, xerrors.Errorf("posting: doc stream: %w", err)
	}
	if freq == 0 {
		return false, xerrors.Errorf("posting: zero frequency for doc gap %d: %w", gap, errCorrupt)
	}
	if !it.started {
		it.doc = gap
		it.started = true
	} else {
		it.doc += gap + 1
	}
	it.freq = freq
	it.read++
	it.startDoc(freq)
	return true, nil
}

func (it *vbyteIterator) SkipTo(target uint32) (uint32, bool, error) {
	if it.started && it.doc >= target {
		return it.doc, true, nil
	}
	if it.skip == nil && it.df >= uint32(it.opts.Interval) {
		data, err := it.loadSkip()
		if err != nil {
			return 0, false, err
		}
		it.skip, err = newSkipReader(data, it.opts.Interval)
		if err != nil {
			return 0, false, err
		}
	}
	if it.skip != nil {
		st, found, err := it.skip.skipTo(target)
		if err != nil {
			return 0, false, err
		}
		if found && st.skipped > it.read {
			it.dfp.Seek(it.dfpStart + st.dfpDelta)
			it.pop.Seek(it.popStart + st.popDelta)
			it.read = st.skipped
			it.doc = st.doc
			it.started = true
			it.posLeft, it.posPending = 0, 0
		}
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

func (it *vbyteIterator) CollectionTermFreq() uint64 {
	if it.ctfSet {
		return it.ctf
	}
	c, err := it.dfp.Clone()
	if err != nil {
		return 0
	}
	defer c.Close()
	c.Seek(it.dfpStart)
	var sum uint64
	for i := uint32(0); i < it.df; i++ {
		if _, err := vbyte.ReadUint32(c); err != nil {
			return 0
		}
		freq, err := vbyte.ReadUint32(c)
		if err != nil {
			return 0
		}
		sum += uint64(freq)
	}
	it.ctf, it.ctfSet = sum, true
	return sum
}

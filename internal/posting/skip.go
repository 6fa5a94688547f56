package posting

import (
	"golang.org/x/xerrors"

	"github.com/gocooper/cooper/internal/vbyte"
)

// Skip lists are written per posting. Level 0 holds one entry per
// skipInterval documents; each higher level samples the one below by the
// same factor, up to maxSkipLevel levels. An entry is the state snapshot
// after consuming its document: (doc id, doc-stream delta, position-
// stream delta), gap-coded against the previous entry of the same level.
// Entries above level 0 carry a fourth value, the byte offset into the
// level below at which scanning resumes after consuming the entry.
//
// The record layout is a one-byte level count, the byte size of every
// level, then the level data, lowest level first.

type skipLevel struct {
	buf     []byte
	lastDoc uint32
	lastDfp int64
	lastPop int64
	entries int
}

type skipWriter struct {
	interval  int
	maxLevels int
	levels    []skipLevel
}

func newSkipWriter(interval, maxLevels int) *skipWriter {
	if maxLevels < 1 {
		maxLevels = 1
	}
	return &skipWriter{
		interval:  interval,
		maxLevels: maxLevels,
		levels:    make([]skipLevel, 1, maxLevels),
	}
}

func (w *skipWriter) reset() {
	w.levels = w.levels[:1]
	w.levels[0] = skipLevel{}
}

// bufferSkip records a snapshot taken after every interval-th document.
// dfpDelta and popDelta are offsets relative to the posting's start in
// the respective streams.
func (w *skipWriter) bufferSkip(doc uint32, dfpDelta, popDelta int64) {
	w.append(0, doc, dfpDelta, popDelta)
}

func (w *skipWriter) append(level int, doc uint32, dfpDelta, popDelta int64) {
	l := &w.levels[level]
	l.buf = vbyte.PutUint32(l.buf, doc-l.lastDoc)
	l.buf = vbyte.PutUint64(l.buf, uint64(dfpDelta-l.lastDfp))
	l.buf = vbyte.PutUint64(l.buf, uint64(popDelta-l.lastPop))
	if level > 0 {
		// Resume offset into the level below, just past the entry
		// this one was promoted from.
		l.buf = vbyte.PutUint64(l.buf, uint64(len(w.levels[level-1].buf)))
	}
	l.lastDoc = doc
	l.lastDfp = dfpDelta
	l.lastPop = popDelta
	l.entries++

	if l.entries%w.interval == 0 && level+1 < w.maxLevels {
		if level+1 == len(w.levels) {
			w.levels = append(w.levels, skipLevel{})
		}
		w.append(level+1, doc, dfpDelta, popDelta)
	}
}

// encode appends the skip record to b.
func (w *skipWriter) encode(b []byte) []byte {
	n := len(w.levels)
	for n > 0 && w.levels[n-1].entries == 0 {
		n--
	}
	b = append(b, byte(n))
	for i := 0; i < n; i++ {
		b = vbyte.PutUint64(b, uint64(len(w.levels[i].buf)))
	}
	for i := 0; i < n; i++ {
		b = append(b, w.levels[i].buf...)
	}
	return b
}

// skipState is the iterator state a successful skip lands on.
type skipState struct {
	doc      uint32
	dfpDelta int64
	popDelta int64
	skipped  uint32 // documents consumed up to and including doc
}

type skipReader struct {
	interval int
	levels   [][]byte
}

// newSkipReader parses a skip record. The record is small (one entry per
// skipInterval documents), so it is held in memory and scanned linearly.
func newSkipReader(data []byte, interval int) (*skipReader, error) {
	if len(data) == 0 {
		return nil, xerrors.Errorf("posting: empty skip record: %w", errCorrupt)
	}
	n := int(data[0])
	rest := data[1:]
	sizes := make([]int, n)
	for i := 0; i < n; i++ {
		v, c := vbyte.Uint64(rest)
		if c == 0 {
			return nil, xerrors.Errorf("posting: skip header truncated: %w", errCorrupt)
		}
		sizes[i] = int(v)
		rest = rest[c:]
	}
	levels := make([][]byte, n)
	for i := 0; i < n; i++ {
		if sizes[i] > len(rest) {
			return nil, xerrors.Errorf("posting: skip level %d overruns record: %w", i, errCorrupt)
		}
		levels[i] = rest[:sizes[i]]
		rest = rest[sizes[i]:]
	}
	return &skipReader{interval: interval, levels: levels}, nil
}

// docsPerEntry returns how many documents one entry at the given level
// stands for.
func (r *skipReader) docsPerEntry(level int) uint32 {
	n := uint32(1)
	for i := 0; i <= level; i++ {
		n *= uint32(r.interval)
	}
	return n
}

// skipTo returns the furthest recorded state whose doc id is strictly
// below target. ok is false when no entry helps (the caller scans from
// its current position). Malformed entries are fatal: a skip list that
// cannot be trusted must not silently degrade to a linear scan, because
// the damage likely extends to the streams it points into.
func (r *skipReader) skipTo(target uint32) (skipState, bool, error) {
	var st skipState
	found := false
	off := int64(0) // resume offset within the current level
	for level := len(r.levels) - 1; level >= 0; level-- {
		if off < 0 || off > int64(len(r.levels[level])) {
			return st, false, xerrors.Errorf("posting: skip child offset %d outside level %d: %w", off, level, errCorrupt)
		}
		data := r.levels[level][off:]
		perEntry := r.docsPerEntry(level)
		// When no entry of this level is taken, the level below resumes
		// at the child of the entry ending at off, the one the level
		// above stopped on.
		next := int64(0)
		if level > 0 {
			for prev := r.levels[level][:off]; len(prev) > 0; {
				_, _, _, child, n, err := decodeSkipEntry(prev, true)
				if err != nil {
					return st, false, xerrors.Errorf("posting: skip entry at level %d: %w", level, err)
				}
				next = child
				prev = prev[n:]
			}
		}
		off = next
		for len(data) > 0 {
			doc, dfp, pop, child, n, err := decodeSkipEntry(data, level > 0)
			if err != nil {
				return st, false, xerrors.Errorf("posting: skip entry at level %d: %w", level, err)
			}
			if doc == 0 || dfp < 0 || pop < 0 {
				return st, false, xerrors.Errorf("posting: non-monotone skip entry at level %d: %w", level, errCorrupt)
			}
			if st.doc+doc >= target {
				break
			}
			st.doc += doc
			st.dfpDelta += dfp
			st.popDelta += pop
			st.skipped += perEntry
			found = true
			data = data[n:]
			if level > 0 {
				off = child
			}
		}
	}
	return st, found, nil
}

func decodeSkipEntry(b []byte, withChild bool) (doc uint32, dfp, pop, child int64, n int, err error) {
	d, c := vbyte.Uint32(b)
	if c == 0 {
		return 0, 0, 0, 0, 0, errCorrupt
	}
	n += c
	f, c := vbyte.Uint64(b[n:])
	if c == 0 {
		return 0, 0, 0, 0, 0, errCorrupt
	}
	n += c
	p, c := vbyte.Uint64(b[n:])
	if c == 0 {
		return 0, 0, 0, 0, 0, errCorrupt
	}
	n += c
	var ch uint64
	if withChild {
		ch, c = vbyte.Uint64(b[n:])
		if c == 0 {
			return 0, 0, 0, 0, 0, errCorrupt
		}
		n += c
	}
	return d, int64(f), int64(p), int64(ch), n, nil
}

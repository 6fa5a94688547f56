package posting

import (
	"golang.org/x/xerrors"

	"github.com/gocooper/cooper/internal/blockcodec"
	"github.com/gocooper/cooper/internal/store"
	"github.com/gocooper/cooper/internal/vbyte"
)

// Format selects the on-disk encoding of the doc/freq stream.
type Format uint8

const (
	// FormatVByte writes plain byte-aligned vbyte entries with a
	// multi-level skip list.
	FormatVByte Format = iota
	// FormatBlock writes fixed-size blocks of entries, each block
	// compressed, with a one-level skip list recording the last doc id
	// and stream offsets of every block.
	FormatBlock
)

// DefaultBlockSize is the number of documents per compressed block.
const DefaultBlockSize = 128

// Options configure how postings are encoded and decoded. The same
// values must be used on both sides.
type Options struct {
	Format    Format
	Interval  int // skip list branching factor
	MaxLevels int
	BlockSize int
}

func (o Options) blockSize() int {
	if o.BlockSize <= 0 {
		return DefaultBlockSize
	}
	return o.BlockSize
}

// TermStats summarizes one written posting for the dictionary record.
type TermStats struct {
	DocFreq   uint32
	Ctf       uint64
	DfpOffset int64
}

// StreamWriter encodes postings onto the shared barrel streams.
type StreamWriter struct {
	Opts Options
}

// Write drains it onto the three streams and returns the dictionary
// stats. A posting that drains zero documents (everything deleted)
// returns DocFreq == 0 and writes nothing.
func (w *StreamWriter) Write(dfp, pop, skp store.Output, it Iterator) (TermStats, error) {
	if w.Opts.Interval < 2 {
		w.Opts.Interval = 8
	}
	switch w.Opts.Format {
	case FormatBlock:
		return w.writeBlock(dfp, pop, skp, it)
	default:
		return w.writeVByte(dfp, pop, skp, it)
	}
}

func copyPositions(pop store.Output, it Iterator) error {
	last := uint32(0)
	first := true
	for {
		pos, ok, err := it.NextPosition()
		if err != nil {
			return err
		}
		if !ok {
			return nil
		}
		gap := pos - last
		if first {
			gap = pos
			first = false
		} else if pos <= last {
			return xerrors.Errorf("posting: position %d after %d is not increasing: %w", pos, last, errCorrupt)
		}
		if _, err := vbyte.WriteUint32(pop, gap); err != nil {
			return err
		}
		last = pos
	}
}

func (w *StreamWriter) writeVByte(dfp, pop, skp store.Output, it Iterator) (TermStats, error) {
	var (
		stats    TermStats
		lastDoc  uint32
		started  bool
		dfpStart = dfp.Offset()
		popStart = pop.Offset()
		skipw    = newSkipWriter(w.Opts.Interval, w.Opts.MaxLevels)
	)
	stats.DfpOffset = dfpStart
	for {
		ok, err := it.Next()
		if err != nil {
			return stats, err
		}
		if !ok {
			break
		}
		doc, freq := it.Doc(), it.Freq()
		gap := doc
		if started {
			if doc <= lastDoc {
				return stats, xerrors.Errorf("posting: doc %d after %d is not increasing: %w", doc, lastDoc, errCorrupt)
			}
			gap = doc - lastDoc - 1
		}
		if _, err := vbyte.WriteUint32(dfp, gap); err != nil {
			return stats, err
		}
		if _, err := vbyte.WriteUint32(dfp, freq); err != nil {
			return stats, err
		}
		if err := copyPositions(pop, it); err != nil {
			return stats, err
		}
		lastDoc = doc
		started = true
		stats.DocFreq++
		stats.Ctf += uint64(freq)
		if int(stats.DocFreq)%w.Opts.Interval == 0 {
			skipw.bufferSkip(doc, dfp.Offset()-dfpStart, pop.Offset()-popStart)
		}
	}
	if stats.DocFreq == 0 {
		return stats, nil
	}
	skipOff := skp.Offset()
	if _, err := skp.Write(skipw.encode(nil)); err != nil {
		return stats, err
	}
	if _, err := vbyte.WriteUint64(dfp, uint64(popStart)); err != nil {
		return stats, err
	}
	if _, err := vbyte.WriteUint64(dfp, uint64(skipOff)); err != nil {
		return stats, err
	}
	return stats, nil
}

func (w *StreamWriter) writeBlock(dfp, pop, skp store.Output, it Iterator) (TermStats, error) {
	var (
		stats    TermStats
		lastDoc  uint32
		started  bool
		dfpStart = dfp.Offset()
		popStart = pop.Offset()
		blockBuf []byte
		compBuf  []byte
		inBlock  int
		// Position-stream offset at the start of the current block.
		blockPop int64
		// Per-block skip entries, gap-coded on encode.
		entries []blockEntry
	)
	stats.DfpOffset = dfpStart
	flushBlock := func() error {
		if inBlock == 0 {
			return nil
		}
		entry := blockEntry{
			lastDoc:  lastDoc,
			dfpDelta: dfp.Offset() - dfpStart,
			popDelta: blockPop - popStart,
		}
		comp, err := blockcodec.Compress(compBuf, blockBuf)
		if err != nil {
			return err
		}
		compBuf = comp[:cap(comp)]
		if _, err := vbyte.WriteUint32(dfp, uint32(len(comp))); err != nil {
			return err
		}
		if _, err := vbyte.WriteUint32(dfp, uint32(inBlock)); err != nil {
			return err
		}
		if _, err := dfp.Write(comp); err != nil {
			return err
		}
		entries = append(entries, entry)
		blockBuf = blockBuf[:0]
		inBlock = 0
		return nil
	}
	for {
		ok, err := it.Next()
		if err != nil {
			return stats, err
		}
		if !ok {
			break
		}
		doc, freq := it.Doc(), it.Freq()
		if inBlock == 0 {
			blockPop = pop.Offset()
		}
		gap := doc
		if started {
			if doc <= lastDoc {
				return stats, xerrors.Errorf("posting: doc %d after %d is not increasing: %w", doc, lastDoc, errCorrupt)
			}
			gap = doc - lastDoc - 1
		}
		blockBuf = vbyte.PutUint32(blockBuf, gap)
		blockBuf = vbyte.PutUint32(blockBuf, freq)
		if err := copyPositions(pop, it); err != nil {
			return stats, err
		}
		lastDoc = doc
		started = true
		stats.DocFreq++
		stats.Ctf += uint64(freq)
		inBlock++
		if inBlock == w.Opts.blockSize() {
			if err := flushBlock(); err != nil {
				return stats, err
			}
		}
	}
	if stats.DocFreq == 0 {
		return stats, nil
	}
	if err := flushBlock(); err != nil {
		return stats, err
	}
	// A zero byte after the last compressed block keeps the backward
	// scan in parseTrailing from running into payload bytes.
	if err := dfp.WriteByte(0); err != nil {
		return stats, err
	}
	skipOff := skp.Offset()
	if _, err := skp.Write(encodeBlockEntries(entries)); err != nil {
		return stats, err
	}
	if _, err := vbyte.WriteUint64(dfp, uint64(popStart)); err != nil {
		return stats, err
	}
	if _, err := vbyte.WriteUint64(dfp, uint64(skipOff)); err != nil {
		return stats, err
	}
	return stats, nil
}

// blockEntry records where a block starts and which doc id it ends on.
// dfpDelta and popDelta are relative to the posting's stream starts and
// describe the state before the block's first entry.
type blockEntry struct {
	lastDoc  uint32 // last doc id in the block
	dfpDelta int64
	popDelta int64
}

func encodeBlockEntries(entries []blockEntry) []byte {
	b := vbyte.PutUint32(nil, uint32(len(entries)))
	var prev blockEntry
	for _, e := range entries {
		b = vbyte.PutUint32(b, e.lastDoc-prev.lastDoc)
		b = vbyte.PutUint64(b, uint64(e.dfpDelta-prev.dfpDelta))
		b = vbyte.PutUint64(b, uint64(e.popDelta-prev.popDelta))
		prev = e
	}
	return b
}

// parseTrailing decodes the two trailing vbyte values (position stream
// offset, skip record offset) from the back of a posting record. vbyte
// encodings end on a byte with the continuation bit clear, and the byte
// before the two values also has it clear (the last freq in the vbyte
// format, a zero separator in the block format), so the split points are
// unambiguous when scanning backwards.
func parseTrailing(tail []byte) (popOff, skipOff uint64, n int, err error) {
	end := len(tail)
	starts := make([]int, 0, 2)
	for k := 0; k < 2; k++ {
		i := end - 1
		if i < 0 || tail[i]&0x80 != 0 {
			return 0, 0, 0, xerrors.Errorf("posting: malformed record tail: %w", errCorrupt)
		}
		for i > 0 && tail[i-1]&0x80 != 0 {
			i--
		}
		starts = append(starts, i)
		end = i
	}
	skipOff, c1 := vbyte.Uint64(tail[starts[0]:])
	popOff, c2 := vbyte.Uint64(tail[starts[1]:starts[0]])
	if c1 == 0 || c2 == 0 {
		return 0, 0, 0, xerrors.Errorf("posting: malformed record tail: %w", errCorrupt)
	}
	return popOff, skipOff, len(tail) - starts[1], nil
}

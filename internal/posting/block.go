package posting

import (
	"golang.org/x/xerrors"

	"github.com/gocooper/cooper/internal/blockcodec"
	"github.com/gocooper/cooper/internal/vbyte"
)

// blockIterator reads the block-coded format: fixed-size runs of
// (gap, freq) entries, each run compressed as one unit, with a one-level
// skip list recording the last doc id and stream offsets per block.
type blockIterator struct {
	diskBase

	block     []byte // decoded entries of the current block
	blockOff  int    // next unread byte within block
	blockLeft int    // undecoded docs in the current block

	entries    []blockEntry
	entriesSet bool
}

func (it *blockIterator) nextBlock() error {
	if it.dfp.Offset() >= it.entriesEnd {
		return xerrors.Errorf("posting: doc stream exhausted after %d of %d docs: %w", it.read, it.df, errCorrupt)
	}
	compLen, err := vbyte.ReadUint32(it.dfp)
	if err != nil {
		return xerrors.Errorf("posting: block header: %w", err)
	}
	count, err := vbyte.ReadUint32(it.dfp)
	if err != nil {
		return xerrors.Errorf("posting: block header: %w", err)
	}
	if count == 0 || int64(compLen) > it.entriesEnd-it.dfp.Offset() {
		return xerrors.Errorf("posting: block of %d bytes, %d docs overruns record: %w", compLen, count, errCorrupt)
	}
	comp := make([]byte, compLen)
	if err := it.dfp.ReadFull(comp); err != nil {
		return err
	}
	it.block, err = blockcodec.Decompress(it.block, comp)
	if err != nil {
		return err
	}
	it.blockOff = 0
	it.blockLeft = int(count)
	return nil
}

func (it *blockIterator) Next() (bool, error) {
	if it.read >= it.df {
		return false, nil
	}
	if it.blockLeft == 0 {
		if err := it.nextBlock(); err != nil {
			return false, err
		}
	}
	gap, n := vbyte.Uint32(it.block[it.blockOff:])
	if n == 0 {
		return false, xerrors.Errorf("posting: block entry truncated: %w", errCorrupt)
	}
	it.blockOff += n
	freq, n := vbyte.Uint32(it.block[it.blockOff:])
	if n == 0 || freq == 0 {
		return false, xerrors.Errorf("posting: block entry truncated: %w", errCorrupt)
	}
	it.blockOff += n
	if !it.started {
		it.doc = gap
		it.started = true
	} else {
		it.doc += gap + 1
	}
	it.freq = freq
	it.read++
	it.blockLeft--
	it.startDoc(freq)
	return true, nil
}

func (it *blockIterator) loadEntries() error {
	if it.entriesSet {
		return nil
	}
	it.skp.Seek(it.skipOff)
	count, err := vbyte.ReadUint32(it.skp)
	if err != nil {
		return xerrors.Errorf("posting: block skip record: %w", err)
	}
	if int64(count) > it.skp.Size() {
		return xerrors.Errorf("posting: %d skip blocks overrun stream: %w", count, errCorrupt)
	}
	entries := make([]blockEntry, count)
	var prev blockEntry
	for i := range entries {
		docGap, err := vbyte.ReadUint32(it.skp)
		if err != nil {
			return xerrors.Errorf("posting: block skip entry: %w", err)
		}
		dfpGap, err := vbyte.ReadUint64(it.skp)
		if err != nil {
			return xerrors.Errorf("posting: block skip entry: %w", err)
		}
		popGap, err := vbyte.ReadUint64(it.skp)
		if err != nil {
			return xerrors.Errorf("posting: block skip entry: %w", err)
		}
		if i > 0 && docGap == 0 {
			return xerrors.Errorf("posting: non-monotone block skip entry %d: %w", i, errCorrupt)
		}
		entries[i] = blockEntry{
			lastDoc:  prev.lastDoc + docGap,
			dfpDelta: prev.dfpDelta + int64(dfpGap),
			popDelta: prev.popDelta + int64(popGap),
		}
		prev = entries[i]
	}
	it.entries = entries
	it.entriesSet = true
	return nil
}

func (it *blockIterator) SkipTo(target uint32) (uint32, bool, error) {
	if it.started && it.doc >= target {
		return it.doc, true, nil
	}
	if err := it.loadEntries(); err != nil {
		return 0, false, err
	}
	// Find the first block that can contain target and jump there if it
	// is ahead of the current position.
	blockSize := uint32(it.opts.blockSize())
	for i, e := range it.entries {
		if e.lastDoc < target {
			continue
		}
		startRead := uint32(i) * blockSize
		if startRead > it.read {
			it.dfp.Seek(it.dfpStart + e.dfpDelta)
			it.pop.Seek(it.popStart + e.popDelta)
			it.read = startRead
			it.blockLeft = 0
			it.posLeft, it.posPending = 0, 0
			if i > 0 {
				it.doc = it.entries[i-1].lastDoc
				it.started = true
			} else {
				it.doc = 0
				it.started = false
			}
		}
		break
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

func (it *blockIterator) CollectionTermFreq() uint64 {
	if it.ctfSet {
		return it.ctf
	}
	c, err := it.dfp.Clone()
	if err != nil {
		return 0
	}
	defer c.Close()
	c.Seek(it.dfpStart)
	var (
		sum  uint64
		seen uint32
		buf  []byte
	)
	for seen < it.df {
		compLen, err := vbyte.ReadUint32(c)
		if err != nil {
			return 0
		}
		count, err := vbyte.ReadUint32(c)
		if err != nil {
			return 0
		}
		comp := make([]byte, compLen)
		if err := c.ReadFull(comp); err != nil {
			return 0
		}
		buf, err = blockcodec.Decompress(buf, comp)
		if err != nil {
			return 0
		}
		off := 0
		for i := uint32(0); i < count; i++ {
			_, n := vbyte.Uint32(buf[off:])
			if n == 0 {
				return 0
			}
			off += n
			freq, n := vbyte.Uint32(buf[off:])
			if n == 0 {
				return 0
			}
			off += n
			sum += uint64(freq)
		}
		seen += count
	}
	it.ctf, it.ctfSet = sum, true
	return sum
}

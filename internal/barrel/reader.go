package barrel

import (
	"encoding/binary"
	"io"
	"sort"

	"golang.org/x/xerrors"

	"github.com/gocooper/cooper/internal/posting"
	"github.com/gocooper/cooper/internal/store"
	"github.com/gocooper/cooper/internal/vbyte"
)

// TermReader serves term lookups against one sealed barrel. Dictionaries
// are loaded into memory at open; postings are read through cloned
// cursors, so one TermReader may serve any number of concurrent reads.
type TermReader struct {
	name   string
	opts   posting.Options
	fields []fieldDict

	dfp store.Input
	pop store.Input
	skp store.Input
}

type fieldDict struct {
	info FieldInfo
	recs []dictRecord
	// ends[i] is the offset just past record i's posting in the doc
	// stream, derived from the next posting's start.
	ends []int64
}

func readAll(in store.Input) ([]byte, error) {
	b := make([]byte, in.Size())
	if _, err := in.ReadAt(b, 0); err != nil && err != io.EOF {
		return nil, err
	}
	return b, nil
}

// OpenTermReader loads the dictionaries of the named barrel.
func OpenTermReader(dir store.Directory, name string, opts posting.Options) (*TermReader, error) {
	r := &TermReader{name: name, opts: opts}
	fdiIn, err := dir.OpenInput(name + ".fdi")
	if err != nil {
		return nil, err
	}
	fdiBytes, err := readAll(fdiIn)
	fdiIn.Close()
	if err != nil {
		return nil, err
	}
	infos, err := parseFieldInfos(fdiBytes)
	if err != nil {
		return nil, xerrors.Errorf("%s.fdi: %w", name, err)
	}

	vocIn, err := dir.OpenInput(name + ".voc")
	if err != nil {
		return nil, err
	}
	defer vocIn.Close()
	for _, info := range infos {
		recs, err := readDictionary(vocIn, info)
		if err != nil {
			return nil, xerrors.Errorf("%s.voc field %d: %w", name, info.ID, err)
		}
		r.fields = append(r.fields, fieldDict{info: info, recs: recs})
	}

	if r.dfp, err = dir.OpenInput(name + ".dfp"); err != nil {
		r.Close()
		return nil, err
	}
	if r.pop, err = dir.OpenInput(name + ".pop"); err != nil {
		r.Close()
		return nil, err
	}
	if r.skp, err = dir.OpenInput(name + ".skp"); err != nil {
		r.Close()
		return nil, err
	}
	r.computeEnds()
	return r, nil
}

func parseFieldInfos(b []byte) ([]FieldInfo, error) {
	if len(b) < 4 {
		return nil, xerrors.Errorf("descriptor of %d bytes: %w", len(b), ErrCorrupt)
	}
	count := binary.LittleEndian.Uint32(b)
	b = b[4:]
	infos := make([]FieldInfo, 0, count)
	for i := uint32(0); i < count; i++ {
		if len(b) < 12 {
			return nil, xerrors.Errorf("field record truncated: %w", ErrCorrupt)
		}
		info := FieldInfo{
			ID:        binary.LittleEndian.Uint16(b[0:]),
			Flags:     FieldFlags(binary.LittleEndian.Uint16(b[2:])),
			VocOffset: binary.LittleEndian.Uint64(b[4:]),
		}
		b = b[12:]
		n, c := vbyte.Uint32(b)
		if c == 0 || int(n) > len(b)-c {
			return nil, xerrors.Errorf("field name truncated: %w", ErrCorrupt)
		}
		info.Name = string(b[c : c+int(n)])
		b = b[c+int(n):]
		infos = append(infos, info)
	}
	return infos, nil
}

// readDictionary seeks to the field's footer and loads its records:
// the footer sits at VocOffset-16, the records just before it.
func readDictionary(voc store.Input, info FieldInfo) ([]dictRecord, error) {
	if info.VocOffset < vocFooterSize || int64(info.VocOffset) > voc.Size() {
		return nil, xerrors.Errorf("dictionary offset %d outside file of %d bytes: %w", info.VocOffset, voc.Size(), ErrCorrupt)
	}
	var footer [vocFooterSize]byte
	if _, err := voc.ReadAt(footer[:], int64(info.VocOffset)-vocFooterSize); err != nil {
		return nil, err
	}
	length := binary.LittleEndian.Uint64(footer[0:])
	terms := binary.LittleEndian.Uint64(footer[8:])
	if length != terms*dictRecordSize || length > info.VocOffset-vocFooterSize {
		return nil, xerrors.Errorf("footer (%d bytes, %d terms) inconsistent: %w", length, terms, ErrCorrupt)
	}
	buf := make([]byte, length)
	if _, err := voc.ReadAt(buf, int64(info.VocOffset)-vocFooterSize-int64(length)); err != nil {
		return nil, err
	}
	recs := make([]dictRecord, terms)
	for i := range recs {
		o := i * dictRecordSize
		recs[i] = dictRecord{
			TermID:    binary.LittleEndian.Uint32(buf[o:]),
			DocFreq:   binary.LittleEndian.Uint32(buf[o+4:]),
			DfpOffset: binary.LittleEndian.Uint64(buf[o+8:]),
		}
		if i > 0 && recs[i].TermID <= recs[i-1].TermID {
			return nil, xerrors.Errorf("term %d after %d is not ascending: %w", recs[i].TermID, recs[i-1].TermID, ErrCorrupt)
		}
	}
	return recs, nil
}

// computeEnds assigns each posting record its end offset in the doc
// stream. Postings were written sequentially, field after field, so a
// record ends where the next one starts; the last ends at the stream
// size.
func (r *TermReader) computeEnds() {
	next := r.dfp.Size()
	for i := len(r.fields) - 1; i >= 0; i-- {
		fd := &r.fields[i]
		fd.ends = make([]int64, len(fd.recs))
		for j := len(fd.recs) - 1; j >= 0; j-- {
			fd.ends[j] = next
			next = int64(fd.recs[j].DfpOffset)
		}
	}
}

// Fields lists the indexed fields of the barrel.
func (r *TermReader) Fields() []FieldInfo {
	infos := make([]FieldInfo, len(r.fields))
	for i, fd := range r.fields {
		infos[i] = fd.info
	}
	return infos
}

func (r *TermReader) field(id uint16) *fieldDict {
	for i := range r.fields {
		if r.fields[i].info.ID == id {
			return &r.fields[i]
		}
	}
	return nil
}

// DocFreq returns the document frequency of (field, term), 0 when
// absent.
func (r *TermReader) DocFreq(field uint16, term uint32) uint32 {
	fd := r.field(field)
	if fd == nil {
		return 0
	}
	if i, ok := fd.seek(term); ok {
		return fd.recs[i].DocFreq
	}
	return 0
}

func (fd *fieldDict) seek(term uint32) (int, bool) {
	i := sort.Search(len(fd.recs), func(i int) bool { return fd.recs[i].TermID >= term })
	if i < len(fd.recs) && fd.recs[i].TermID == term {
		return i, true
	}
	return i, false
}

func (fd *fieldDict) options(base posting.Options) posting.Options {
	if fd.info.Flags&FlagBlockCoded != 0 {
		base.Format = posting.FormatBlock
	} else {
		base.Format = posting.FormatVByte
	}
	return base
}

// TermDocs returns an iterator over the term's posting, including lazy
// positions, or ok == false when the barrel does not contain the term.
func (r *TermReader) TermDocs(field uint16, term uint32) (posting.Iterator, bool, error) {
	fd := r.field(field)
	if fd == nil {
		return nil, false, nil
	}
	i, ok := fd.seek(term)
	if !ok {
		return nil, false, nil
	}
	it, err := r.openPosting(fd, i)
	if err != nil {
		return nil, false, err
	}
	return it, true, nil
}

func (r *TermReader) openPosting(fd *fieldDict, i int) (posting.Iterator, error) {
	dfpClone, err := r.dfp.Clone()
	if err != nil {
		return nil, err
	}
	popClone, err := r.pop.Clone()
	if err != nil {
		dfpClone.Close()
		return nil, err
	}
	skpClone, err := r.skp.Clone()
	if err != nil {
		dfpClone.Close()
		popClone.Close()
		return nil, err
	}
	rec := posting.Record{
		DfpOffset: int64(fd.recs[i].DfpOffset),
		RecordEnd: fd.ends[i],
		DocFreq:   fd.recs[i].DocFreq,
	}
	it, err := posting.OpenDisk(store.NewCursor(dfpClone), store.NewCursor(popClone), store.NewCursor(skpClone), rec, fd.options(r.opts))
	if err != nil {
		dfpClone.Close()
		popClone.Close()
		skpClone.Close()
		return nil, xerrors.Errorf("%s field %d term %d: %w", r.name, fd.info.ID, fd.recs[i].TermID, err)
	}
	return it, nil
}

// Terms returns an iterator over the field's dictionary in ascending
// term id order; the merge walks barrels with it.
func (r *TermReader) Terms(field uint16) *TermIterator {
	fd := r.field(field)
	if fd == nil {
		return &TermIterator{idx: -1}
	}
	return &TermIterator{r: r, fd: fd, idx: -1}
}

// Close releases the stream inputs.
func (r *TermReader) Close() error {
	var first error
	for _, in := range []store.Input{r.dfp, r.pop, r.skp} {
		if in == nil {
			continue
		}
		if err := in.Close(); err != nil && first == nil {
			first = err
		}
	}
	return first
}

// TermIterator walks one field's dictionary.
type TermIterator struct {
	r   *TermReader
	fd  *fieldDict
	idx int
}

// Next advances to the next term.
func (it *TermIterator) Next() bool {
	if it.fd == nil {
		return false
	}
	it.idx++
	return it.idx < len(it.fd.recs)
}

// Term returns the current term id.
func (it *TermIterator) Term() uint32 { return it.fd.recs[it.idx].TermID }

// DocFreq returns the current term's document frequency.
func (it *TermIterator) DocFreq() uint32 { return it.fd.recs[it.idx].DocFreq }

// Posting opens the current term's posting.
func (it *TermIterator) Posting() (posting.Iterator, error) {
	return it.r.openPosting(it.fd, it.idx)
}

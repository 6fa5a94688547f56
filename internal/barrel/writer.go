package barrel

import (
	"encoding/binary"
	"log"

	"golang.org/x/xerrors"

	"github.com/gocooper/cooper/internal/posting"
	"github.com/gocooper/cooper/internal/store"
	"github.com/gocooper/cooper/internal/vbyte"
)

// Writer seals a barrel onto a directory. Fields must be added in
// ascending id order and, within a field, terms in ascending term id
// order; the flush and merge paths both feed it that way.
type Writer struct {
	dir  store.Directory
	name string
	opts posting.Options
	pw   posting.StreamWriter

	voc store.Output
	dfp store.Output
	pop store.Output
	skp store.Output

	fields []FieldInfo

	// Per-field state between BeginField and EndField.
	inField  bool
	field    FieldInfo
	vocBuf   []byte
	terms    uint64
	prevTerm uint32
	hasTerm  bool

	// Aggregate stats for the manifest entry.
	ctf uint64
}

// NewWriter creates the output files for the named barrel.
func NewWriter(dir store.Directory, name string, opts posting.Options) (*Writer, error) {
	w := &Writer{dir: dir, name: name, opts: opts, pw: posting.StreamWriter{Opts: opts}}
	var err error
	if w.voc, err = dir.OpenOutput(name + ".voc"); err != nil {
		return nil, err
	}
	if w.dfp, err = dir.OpenOutput(name + ".dfp"); err != nil {
		w.voc.Close()
		return nil, err
	}
	if w.pop, err = dir.OpenOutput(name + ".pop"); err != nil {
		w.voc.Close()
		w.dfp.Close()
		return nil, err
	}
	if w.skp, err = dir.OpenOutput(name + ".skp"); err != nil {
		w.voc.Close()
		w.dfp.Close()
		w.pop.Close()
		return nil, err
	}
	return w, nil
}

// BeginField starts the dictionary run of a new field.
func (w *Writer) BeginField(id uint16, name string) error {
	if w.inField {
		return xerrors.New("barrel: BeginField while a field is open")
	}
	if n := len(w.fields); n > 0 && w.fields[n-1].ID >= id {
		return xerrors.Errorf("barrel: field %d after %d is not ascending", id, w.fields[n-1].ID)
	}
	var flags FieldFlags
	if w.opts.Format == posting.FormatBlock {
		flags |= FlagBlockCoded
	}
	w.inField = true
	w.field = FieldInfo{ID: id, Name: name, Flags: flags}
	w.vocBuf = w.vocBuf[:0]
	w.terms = 0
	w.hasTerm = false
	return nil
}

// AddTerm drains it into the barrel streams under the current field.
// Postings that drain no documents (everything deleted) are dropped.
func (w *Writer) AddTerm(termID uint32, it posting.Iterator) error {
	if !w.inField {
		return xerrors.New("barrel: AddTerm outside a field")
	}
	if w.hasTerm && termID <= w.prevTerm {
		return xerrors.Errorf("barrel: term %d after %d is not ascending", termID, w.prevTerm)
	}
	stats, err := w.pw.Write(w.dfp, w.pop, w.skp, it)
	if err != nil {
		return err
	}
	if stats.DocFreq == 0 {
		return nil
	}
	var rec [dictRecordSize]byte
	binary.LittleEndian.PutUint32(rec[0:], termID)
	binary.LittleEndian.PutUint32(rec[4:], stats.DocFreq)
	binary.LittleEndian.PutUint64(rec[8:], uint64(stats.DfpOffset))
	w.vocBuf = append(w.vocBuf, rec[:]...)
	w.terms++
	w.prevTerm = termID
	w.hasTerm = true
	w.ctf += stats.Ctf
	return nil
}

// EndField writes the field's dictionary run and footer.
func (w *Writer) EndField() error {
	if !w.inField {
		return xerrors.New("barrel: EndField without BeginField")
	}
	if _, err := w.voc.Write(w.vocBuf); err != nil {
		return err
	}
	var footer [vocFooterSize]byte
	binary.LittleEndian.PutUint64(footer[0:], uint64(len(w.vocBuf)))
	binary.LittleEndian.PutUint64(footer[8:], w.terms)
	if _, err := w.voc.Write(footer[:]); err != nil {
		return err
	}
	w.field.VocOffset = uint64(w.voc.Offset())
	w.fields = append(w.fields, w.field)
	w.inField = false
	return nil
}

// Close writes the field descriptors and seals all files.
func (w *Writer) Close() error {
	if w.inField {
		return xerrors.New("barrel: Close with an open field")
	}
	fdi, err := w.dir.OpenOutput(w.name + ".fdi")
	if err != nil {
		return err
	}
	var hdr [4]byte
	binary.LittleEndian.PutUint32(hdr[:], uint32(len(w.fields)))
	if _, err := fdi.Write(hdr[:]); err != nil {
		fdi.Close()
		return err
	}
	for _, f := range w.fields {
		var rec [12]byte
		binary.LittleEndian.PutUint16(rec[0:], f.ID)
		binary.LittleEndian.PutUint16(rec[2:], uint16(f.Flags))
		binary.LittleEndian.PutUint64(rec[4:], f.VocOffset)
		if _, err := fdi.Write(rec[:]); err != nil {
			fdi.Close()
			return err
		}
		nameBuf := vbyte.PutUint32(nil, uint32(len(f.Name)))
		nameBuf = append(nameBuf, f.Name...)
		if _, err := fdi.Write(nameBuf); err != nil {
			fdi.Close()
			return err
		}
	}
	if err := fdi.Close(); err != nil {
		return err
	}
	for _, out := range []store.Output{w.voc, w.dfp, w.pop, w.skp} {
		if err := out.Close(); err != nil {
			return err
		}
	}
	return nil
}

// Abort closes and deletes whatever has been written. Used when a flush
// or merge fails partway.
func (w *Writer) Abort() {
	for _, out := range []store.Output{w.voc, w.dfp, w.pop, w.skp} {
		out.Close()
	}
	if err := Remove(w.dir, w.name); err != nil {
		log.Printf("barrel: removing aborted %s: %v", w.name, err)
	}
}

// Ctf returns the total number of term occurrences written.
func (w *Writer) Ctf() uint64 { return w.ctf }

package cooper

import "golang.org/x/xerrors"

// Document is one unit of indexing: a monotone id plus, per field, the
// term stream produced by an external tokenizer and optionally typed
// values for the secondary index.
type Document struct {
	// Collection the document belongs to. A single index may host
	// several collections, each with its own base doc id per barrel.
	Collection uint16

	// ID is assigned by the caller and must strictly increase across
	// the lifetime of the index; ids are never reused.
	ID uint32

	Fields []Field
}

// Field carries one property's contribution to a document.
type Field struct {
	ID   uint16
	Name string

	// Terms is the tokenized stream in order of occurrence; term
	// positions are the 1-based offsets into this slice.
	Terms []uint32

	// Values are typed keys indexed into the secondary index for
	// point, range, prefix and suffix filtering.
	Values []Key
}

// AddTerms appends a field holding a term stream.
func (d *Document) AddTerms(id uint16, name string, terms ...uint32) {
	d.Fields = append(d.Fields, Field{ID: id, Name: name, Terms: terms})
}

// AddValue appends a field holding a single typed value.
func (d *Document) AddValue(id uint16, name string, value Key) {
	d.Fields = append(d.Fields, Field{ID: id, Name: name, Values: []Key{value}})
}

func (d *Document) validate() error {
	if d.ID == 0 {
		return xerrors.Errorf("document id must be positive: %w", ErrOutOfBound)
	}
	for _, f := range d.Fields {
		for _, v := range f.Values {
			if !v.Valid() {
				return xerrors.Errorf("field %d carries an invalid key: %w", f.ID, ErrConfig)
			}
		}
	}
	return nil
}

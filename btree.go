package cooper

import "github.com/gocooper/cooper/bitvector"

// The secondary index answers typed value queries as bitvectors over
// document ids. Values reach it through Document.Fields[].Values during
// AddDocument; updates and deletes of documents do not retract values
// automatically (the caller knows the old typed values, the engine does
// not), so RemoveValue exists for that.

// RemoveValue retracts one (field, value, doc) entry from the secondary
// index.
func (ix *Index) RemoveValue(col, field uint16, value Key, doc uint32) error {
	return ix.bt.Remove(col, field, value, doc)
}

// FlushValues folds the secondary index write log into its backing
// store.
func (ix *Index) FlushValues() error {
	return ix.bt.Flush()
}

// ValueEqual returns the documents whose field equals value.
func (ix *Index) ValueEqual(col, field uint16, value Key) (*bitvector.BitVector, error) {
	return ix.bt.Get(col, field, value)
}

// HasValue reports whether any document carries the value.
func (ix *Index) HasValue(col, field uint16, value Key) (bool, error) {
	return ix.bt.Seek(col, field, value)
}

// ValueBetween returns the documents whose field lies in [lo, hi].
func (ix *Index) ValueBetween(col, field uint16, lo, hi Key) (*bitvector.BitVector, error) {
	return ix.bt.Range(col, field, lo, hi)
}

// ValueLess returns the documents whose field is strictly below value.
func (ix *Index) ValueLess(col, field uint16, value Key) (*bitvector.BitVector, error) {
	return ix.bt.Less(col, field, value)
}

// ValueLessEqual returns the documents whose field is at or below
// value.
func (ix *Index) ValueLessEqual(col, field uint16, value Key) (*bitvector.BitVector, error) {
	return ix.bt.LessEqual(col, field, value)
}

// ValueGreater returns the documents whose field is strictly above
// value.
func (ix *Index) ValueGreater(col, field uint16, value Key) (*bitvector.BitVector, error) {
	return ix.bt.Greater(col, field, value)
}

// ValueGreaterEqual returns the documents whose field is at or above
// value.
func (ix *Index) ValueGreaterEqual(col, field uint16, value Key) (*bitvector.BitVector, error) {
	return ix.bt.GreaterEqual(col, field, value)
}

// ValueStartsWith returns the documents whose string field starts with
// prefix.
func (ix *Index) ValueStartsWith(col, field uint16, prefix string) (*bitvector.BitVector, error) {
	return ix.bt.StartsWith(col, field, prefix)
}

// ValueEndsWith returns the documents whose string field ends with
// suffix.
func (ix *Index) ValueEndsWith(col, field uint16, suffix string) (*bitvector.BitVector, error) {
	return ix.bt.EndsWith(col, field, suffix)
}

// ValueContains returns the documents whose string field contains sub.
func (ix *Index) ValueContains(col, field uint16, sub string) (*bitvector.BitVector, error) {
	return ix.bt.Contains(col, field, sub)
}

// ValueKeyCount returns the number of distinct live keys under the
// field.
func (ix *Index) ValueKeyCount(col, field uint16) (int, error) {
	return ix.bt.Count(col, field)
}

// Package posting implements per-term document lists: the in-memory
// variant grown during writing, the on-disk variant backed by cloned
// input cursors, the skip lists that accelerate them, and the K-way
// merge they share.
//
// A posting is a sequence of (doc, freq, positions[freq]) triples in
// strictly increasing doc id order; positions within a document are
// strictly increasing as well. Doc ids are gap-coded (the first raw,
// subsequent ones as gap-1), frequencies raw, positions gap-coded with
// the gap base reset on every document.
package posting

import "golang.org/x/xerrors"

// Iterator iterates one posting in ascending doc id order. Doc and Freq
// are valid after Next or SkipTo report a document. NextPosition drains
// at most Freq values per document and is lazy: positions of skipped
// documents are never decoded unless requested.
type Iterator interface {
	// DocFreq returns the number of documents in the posting.
	DocFreq() uint32
	// CollectionTermFreq returns the total number of term occurrences.
	CollectionTermFreq() uint64
	// Next advances to the next document.
	Next() (bool, error)
	// Doc returns the current document id.
	Doc() uint32
	// Freq returns the current document's term frequency.
	Freq() uint32
	// NextPosition returns the next position within the current
	// document, or ok == false once Freq values have been returned.
	NextPosition() (pos uint32, ok bool, err error)
	// SkipTo advances to the smallest document id >= target and
	// returns it. ok == false means the posting is exhausted.
	SkipTo(target uint32) (doc uint32, ok bool, err error)
	// Close releases any underlying cursors.
	Close() error
}

// errCorrupt marks on-disk invariant violations. The barrel layer wraps
// it into the engine's corruption kind.
var errCorrupt = xerrors.New("posting: corrupt")

// IsCorrupt reports whether err was caused by an on-disk invariant
// violation rather than plain I/O failure.
func IsCorrupt(err error) bool {
	return xerrors.Is(err, errCorrupt)
}

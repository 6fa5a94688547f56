// Package barrel reads and writes index segments. A barrel is a set of
// files sharing a stem: the term dictionary (.voc), the doc-and-freq
// stream (.dfp), the position stream (.pop), field descriptors (.fdi)
// and skip lists (.skp). Sealed barrels are immutable; the in-memory
// variant accumulates documents until the writer flushes it.
package barrel

import (
	"golang.org/x/xerrors"

	"github.com/gocooper/cooper/internal/store"
)

// ErrCorrupt marks invariant violations found in barrel files. The
// engine quarantines the barrel and refuses queries against it.
var ErrCorrupt = xerrors.New("barrel: corrupt")

// Extensions of the files making up one barrel.
var extensions = []string{".voc", ".dfp", ".pop", ".fdi", ".skp"}

// Files returns the file names of the barrel with the given stem.
func Files(name string) []string {
	files := make([]string, len(extensions))
	for i, ext := range extensions {
		files[i] = name + ext
	}
	return files
}

// Remove deletes all files of the named barrel. Missing files are
// ignored so that cleanup after a failed write is idempotent.
func Remove(dir store.Directory, name string) error {
	var first error
	for _, f := range Files(name) {
		ok, err := dir.Exists(f)
		if err != nil {
			if first == nil {
				first = err
			}
			continue
		}
		if !ok {
			continue
		}
		if err := dir.Delete(f); err != nil && first == nil {
			first = err
		}
	}
	return first
}

// Rename moves all files of a barrel to a new stem.
func Rename(dir store.Directory, oldName, newName string) error {
	for i, f := range Files(oldName) {
		if err := dir.Rename(f, Files(newName)[i]); err != nil {
			return err
		}
	}
	return nil
}

// FieldFlags describe how a field's postings are encoded.
type FieldFlags uint16

const (
	// FlagBlockCoded marks fields whose postings use the block format.
	FlagBlockCoded FieldFlags = 1 << iota
)

// FieldInfo describes one indexed field of a barrel.
type FieldInfo struct {
	ID    uint16
	Name  string
	Flags FieldFlags
	// VocOffset points just past the field's dictionary footer within
	// the .voc file.
	VocOffset uint64
}

// dictRecord is one term of a field dictionary: 16 bytes on disk.
type dictRecord struct {
	TermID    uint32
	DocFreq   uint32
	DfpOffset uint64
}

const (
	dictRecordSize = 16
	vocFooterSize  = 16
)

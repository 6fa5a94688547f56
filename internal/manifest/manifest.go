// Package manifest maintains the "barrels" file: the authoritative,
// versioned list of live barrels. The file is always rewritten whole and
// swapped in with an atomic rename, so readers observe either the old or
// the new barrel set, never a mix.
package manifest

import (
	"encoding/json"
	"fmt"
	"io"
	"os"

	"golang.org/x/xerrors"

	"github.com/gocooper/cooper/internal/store"
)

// FileName is the manifest's name within the index directory.
const FileName = "barrels"

// CurrentVersion is written into new manifests. Loading a manifest with
// a different version is refused; barrel formats do not migrate.
const CurrentVersion = "1.0"

// BarrelInfo describes one live barrel.
type BarrelInfo struct {
	Name string `json:"name"`
	// BaseDocIDs maps collection id to the smallest doc id the barrel
	// holds for that collection.
	BaseDocIDs    map[uint16]uint32 `json:"base_doc_ids"`
	NumDocs       uint32            `json:"num_docs"`
	MaxDocID      uint32            `json:"max_doc_id"`
	HasUpdateDocs bool              `json:"has_update_docs,omitempty"`
}

// clone returns a deep copy.
func (b BarrelInfo) clone() BarrelInfo {
	nb := b
	nb.BaseDocIDs = make(map[uint16]uint32, len(b.BaseDocIDs))
	for k, v := range b.BaseDocIDs {
		nb.BaseDocIDs[k] = v
	}
	return nb
}

// BarrelsInfo is the manifest contents. Values are copied freely; the
// engine hands immutable snapshots to readers.
type BarrelsInfo struct {
	Version       string       `json:"version"`
	BarrelCounter uint32       `json:"barrel_counter"`
	Lock          bool         `json:"lock"`
	Barrels       []BarrelInfo `json:"barrels"`
}

// New returns an empty manifest at the current version.
func New() *BarrelsInfo {
	return &BarrelsInfo{Version: CurrentVersion}
}

// Clone returns a deep copy suitable for handing to a reader snapshot.
func (m *BarrelsInfo) Clone() *BarrelsInfo {
	nm := &BarrelsInfo{
		Version:       m.Version,
		BarrelCounter: m.BarrelCounter,
		Lock:          m.Lock,
		Barrels:       make([]BarrelInfo, len(m.Barrels)),
	}
	for i, b := range m.Barrels {
		nm.Barrels[i] = b.clone()
	}
	return nm
}

// NewBarrelName allocates the next barrel name from the counter.
func (m *BarrelsInfo) NewBarrelName() string {
	name := fmt.Sprintf("_%d", m.BarrelCounter)
	m.BarrelCounter++
	return name
}

// AddBarrel appends a descriptor.
func (m *BarrelsInfo) AddBarrel(b BarrelInfo) {
	m.Barrels = append(m.Barrels, b)
}

// Barrel returns the descriptor with the given name.
func (m *BarrelsInfo) Barrel(name string) (BarrelInfo, bool) {
	for _, b := range m.Barrels {
		if b.Name == name {
			return b, true
		}
	}
	return BarrelInfo{}, false
}

// RemoveBarrels drops the named descriptors, preserving order of the
// rest.
func (m *BarrelsInfo) RemoveBarrels(names map[string]bool) {
	out := m.Barrels[:0]
	for _, b := range m.Barrels {
		if !names[b.Name] {
			out = append(out, b)
		}
	}
	m.Barrels = out
}

// ReplaceBarrels substitutes merged for the named descriptors. The new
// descriptor takes the rank of the newest input so that barrels which
// were younger than every input stay younger than the merged result;
// doc-id ties across barrels are resolved by that order.
func (m *BarrelsInfo) ReplaceBarrels(names map[string]bool, merged BarrelInfo) {
	out := m.Barrels[:0]
	inserted := false
	last := -1
	for i, b := range m.Barrels {
		if names[b.Name] {
			last = i
		}
	}
	for i, b := range m.Barrels {
		if names[b.Name] {
			if i == last {
				out = append(out, merged)
				inserted = true
			}
			continue
		}
		out = append(out, b)
	}
	if !inserted {
		out = append(out, merged)
	}
	m.Barrels = out
}

// DocCount sums the documents across barrels; deletions are tracked
// separately by the reader's bitvector.
func (m *BarrelsInfo) DocCount() uint32 {
	var n uint32
	for _, b := range m.Barrels {
		n += b.NumDocs
	}
	return n
}

// MaxDocID returns the largest doc id across barrels.
func (m *BarrelsInfo) MaxDocID() uint32 {
	var max uint32
	for _, b := range m.Barrels {
		if b.MaxDocID > max {
			max = b.MaxDocID
		}
	}
	return max
}

// Write rewrites the manifest atomically.
func (m *BarrelsInfo) Write(dir store.Directory) error {
	data, err := json.MarshalIndent(m, "", "  ")
	if err != nil {
		return err
	}
	return store.WriteFileAtomic(dir, FileName, data)
}

// Read loads the manifest, or returns a fresh one when none exists yet.
func Read(dir store.Directory) (*BarrelsInfo, error) {
	in, err := dir.OpenInput(FileName)
	if err != nil {
		if os.IsNotExist(err) {
			return New(), nil
		}
		return nil, err
	}
	defer in.Close()
	data := make([]byte, in.Size())
	if _, err := in.ReadAt(data, 0); err != nil && err != io.EOF {
		return nil, err
	}
	m := &BarrelsInfo{}
	if err := json.Unmarshal(data, m); err != nil {
		return nil, xerrors.Errorf("manifest: parsing %s: %w", FileName, err)
	}
	if m.Version != CurrentVersion {
		return nil, xerrors.Errorf("manifest: version %q not supported (want %q)", m.Version, CurrentVersion)
	}
	// A manifest persisted mid-merge may still carry the lock flag; it
	// is advisory and must not wedge reopen after a crash.
	m.Lock = false
	return m, nil
}

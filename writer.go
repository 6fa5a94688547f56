package cooper

import (
	"log"

	"golang.org/x/xerrors"

	"github.com/gocooper/cooper/bitvector"
	"github.com/gocooper/cooper/internal/barrel"
	"github.com/gocooper/cooper/internal/manifest"
)

// AddDocument indexes a new document. The id must extend the monotone
// sequence: it has to be larger than every id the index has seen.
func (ix *Index) AddDocument(doc Document) error {
	if err := doc.validate(); err != nil {
		return err
	}
	ix.mu.Lock()
	defer ix.mu.Unlock()
	if ix.closed {
		return ErrClosed
	}
	if max := ix.maxDocLocked(); doc.ID <= max {
		return xerrors.Errorf("document id %d does not extend max id %d: %w", doc.ID, max, ErrOutOfBound)
	}
	return ix.indexLocked(doc)
}

// UpdateDocument replaces the payload stored under an existing id. The
// old copy is masked through the deletion bitvectors of the barrels
// that hold it and physically removed by the next merge; the new copy
// goes into the current in-memory barrel.
func (ix *Index) UpdateDocument(doc Document) error {
	if err := doc.validate(); err != nil {
		return err
	}
	ix.mu.Lock()
	defer ix.mu.Unlock()
	if ix.closed {
		return ErrClosed
	}
	if doc.ID > ix.maxDocLocked() {
		return xerrors.Errorf("document id %d was never assigned: %w", doc.ID, ErrOutOfBound)
	}
	// The unsealed barrel only accepts ascending ids, and an old copy
	// sitting in it could not be masked by any bitvector. Sealing it
	// first resolves both: the re-added payload starts a fresh barrel
	// that outranks every copy on disk.
	if ix.mem != nil && !ix.mem.Empty() {
		if err := ix.flushLocked(); err != nil {
			return err
		}
	}
	ix.deleteLocked(doc.ID)
	ix.memUpdates = true
	return ix.indexLocked(doc)
}

// DeleteDocument removes a document. The id stays reserved forever;
// postings drop out of query results immediately and off disk at the
// next merge touching their barrels.
func (ix *Index) DeleteDocument(col uint16, id uint32) error {
	ix.mu.Lock()
	defer ix.mu.Unlock()
	if ix.closed {
		return ErrClosed
	}
	if id > ix.maxDocLocked() {
		return xerrors.Errorf("document id %d was never assigned: %w", id, ErrOutOfBound)
	}
	// A doc still in the unsealed barrel has no bitvector to land in.
	if ix.mem != nil && id > ix.info.MaxDocID() {
		if err := ix.flushLocked(); err != nil {
			return err
		}
	}
	ix.deleteLocked(id)
	return nil
}

func (ix *Index) maxDocLocked() uint32 {
	max := ix.info.MaxDocID()
	if ix.mem != nil && ix.mem.MaxDoc() > max {
		max = ix.mem.MaxDoc()
	}
	return max
}

// deleteLocked sets the deletion bit in every sealed barrel whose doc
// id range can contain id. Setting it in a barrel that does not hold
// the doc is harmless; filtering an absent doc is a no-op.
func (ix *Index) deleteLocked(id uint32) {
	ix.delMu.Lock()
	for _, b := range ix.info.Barrels {
		if id > b.MaxDocID {
			continue
		}
		v := ix.deletes[b.Name]
		if v == nil {
			v = bitvector.New(0)
			ix.deletes[b.Name] = v
		}
		v.Set(id)
	}
	ix.delDirty++
	dirty := ix.delDirty
	ix.delMu.Unlock()
	ix.gen++

	if dirty >= delFlushInterval {
		if err := ix.writeDeletes(); err != nil {
			log.Printf("cooper: writing deletion sidecars: %v", err)
		}
	}
}

// indexLocked feeds one document into the in-memory barrel and the
// secondary index.
func (ix *Index) indexLocked(doc Document) error {
	if ix.mem == nil {
		ix.mem = barrel.NewMemBarrel()
		ix.memBase = make(map[uint16]uint32)
	}
	if _, ok := ix.memBase[doc.Collection]; !ok {
		ix.memBase[doc.Collection] = doc.ID
	}
	for _, f := range doc.Fields {
		for i, term := range f.Terms {
			if err := ix.mem.AddOccurrence(f.ID, f.Name, term, doc.ID, uint32(i)+1); err != nil {
				return err
			}
		}
		for _, v := range f.Values {
			if err := ix.bt.Add(doc.Collection, f.ID, v, doc.ID); err != nil {
				return err
			}
		}
	}
	ix.mem.DocAdded()
	if ix.realtime {
		ix.gen++
	}
	if ix.mem.MemoryUsed() >= ix.cfg.MemoryBudget {
		return ix.flushLocked()
	}
	return nil
}

// Flush seals the in-memory barrel into a new on-disk barrel and
// rewrites the manifest.
func (ix *Index) Flush() error {
	ix.mu.Lock()
	defer ix.mu.Unlock()
	if ix.closed {
		return ErrClosed
	}
	return ix.flushLocked()
}

func (ix *Index) flushLocked() error {
	if ix.mem == nil || ix.mem.Empty() {
		return nil
	}
	name := ix.info.NewBarrelName()
	w, err := barrel.NewWriter(ix.dir, name, ix.popts)
	if err != nil {
		return err
	}
	if err := ix.mem.WriteTo(w); err != nil {
		w.Abort()
		return err
	}
	if err := w.Close(); err != nil {
		w.Abort()
		return err
	}

	info := manifest.BarrelInfo{
		Name:          name,
		BaseDocIDs:    ix.memBase,
		NumDocs:       ix.mem.NumDocs(),
		MaxDocID:      ix.mem.MaxDoc(),
		HasUpdateDocs: ix.memUpdates,
	}
	ix.info.AddBarrel(info)
	if err := ix.info.Write(ix.dir); err != nil {
		// The manifest still names the barrel; roll that back so a
		// retried flush does not duplicate it.
		ix.info.RemoveBarrels(map[string]bool{name: true})
		barrel.Remove(ix.dir, name)
		return err
	}

	h := &barrelHandle{name: name, info: info}
	h.tr, h.trErr = barrel.OpenTermReader(ix.dir, name, ix.popts)
	ix.handles[name] = h

	ix.mem = nil
	ix.memBase = nil
	ix.memUpdates = false
	ix.gen++

	log.Printf("writer: sealed barrel %s (%d docs, max id %d)", name, info.NumDocs, info.MaxDocID)
	ix.sched.offerBarrel(name)
	return nil
}

package btree

import (
	"bytes"
	"sync"

	"github.com/syndtr/goleveldb/leveldb"
	"github.com/syndtr/goleveldb/leveldb/storage"
	"github.com/syndtr/goleveldb/leveldb/util"
	"golang.org/x/xerrors"

	"github.com/gocooper/cooper/bitvector"
	"github.com/gocooper/cooper/internal/vbyte"
)

// DefaultCacheEntries bounds the write log when the configuration does
// not say otherwise.
const DefaultCacheEntries = 100000

// Indexer is the typed secondary index over all (collection, field)
// pairs of one index. A reader-writer lock protects the combination of
// write log and backing store: point and range reads share it,
// mutations and flushes take it exclusively.
type Indexer struct {
	mu sync.RWMutex
	db *leveldb.DB

	cache  map[string]*cacheEntry
	ops    int
	maxOps int
	counts map[uint32]int // (col<<16|field) -> live key count
}

type cacheEntry struct {
	col   uint16
	field uint16
	key   Key
	ops   []logOp
}

type logOp struct {
	doc    uint32
	remove bool
}

// Open opens (creating if needed) the backing store at path.
func Open(path string, cacheEntries int) (*Indexer, error) {
	db, err := leveldb.OpenFile(path, nil)
	if err != nil {
		return nil, xerrors.Errorf("btree: opening store at %s: %w", path, err)
	}
	return newIndexer(db, cacheEntries), nil
}

// OpenMemory backs the store with memory; tests and in-memory indexes
// use it.
func OpenMemory(cacheEntries int) (*Indexer, error) {
	db, err := leveldb.Open(storage.NewMemStorage(), nil)
	if err != nil {
		return nil, xerrors.Errorf("btree: opening memory store: %w", err)
	}
	return newIndexer(db, cacheEntries), nil
}

func newIndexer(db *leveldb.DB, cacheEntries int) *Indexer {
	if cacheEntries <= 0 {
		cacheEntries = DefaultCacheEntries
	}
	return &Indexer{
		db:     db,
		cache:  make(map[string]*cacheEntry),
		maxOps: cacheEntries,
		counts: make(map[uint32]int),
	}
}

// Close flushes the write log and closes the store.
func (x *Indexer) Close() error {
	if err := x.Flush(); err != nil {
		x.db.Close()
		return err
	}
	return x.db.Close()
}

// Add records that doc carries the value key in the given field.
func (x *Indexer) Add(col, field uint16, key Key, doc uint32) error {
	return x.log(col, field, key, doc, false)
}

// Remove records that doc no longer carries the value.
func (x *Indexer) Remove(col, field uint16, key Key, doc uint32) error {
	return x.log(col, field, key, doc, true)
}

func (x *Indexer) log(col, field uint16, key Key, doc uint32, remove bool) error {
	if !key.Valid() {
		return xerrors.New("btree: invalid key")
	}
	if key.Kind() == KindString && bytes.IndexByte([]byte(key.Str()), suffixSep) >= 0 {
		return xerrors.New("btree: string keys must not contain NUL")
	}
	x.mu.Lock()
	defer x.mu.Unlock()
	enc := string(key.encode(col, field))
	e, ok := x.cache[enc]
	if !ok {
		e = &cacheEntry{col: col, field: field, key: key}
		x.cache[enc] = e
	}
	e.ops = append(e.ops, logOp{doc: doc, remove: remove})
	x.ops++
	delete(x.counts, uint32(col)<<16|uint32(field))
	if x.ops >= x.maxOps {
		return x.flushLocked()
	}
	return nil
}

// Flush folds the write log into the backing store.
func (x *Indexer) Flush() error {
	x.mu.Lock()
	defer x.mu.Unlock()
	return x.flushLocked()
}

// flushLocked merges every logged key: read the stored doc list, apply
// adds and removes in order, write back (or delete when empty). A store
// failure keeps the log intact for the next attempt.
func (x *Indexer) flushLocked() error {
	if len(x.cache) == 0 {
		return nil
	}
	batch := new(leveldb.Batch)
	for enc, e := range x.cache {
		stored, err := x.storedDocs([]byte(enc))
		if err != nil {
			return err
		}
		merged := applyOps(stored, e.ops)
		if merged.Any() {
			batch.Put([]byte(enc), encodeDocs(merged))
			if e.key.Kind() == KindString {
				full := e.key.Str()
				for i := 0; i < len(full); i++ {
					batch.Put(suffixEntryKey(e.col, e.field, full[i:], full), nil)
				}
			}
		} else {
			batch.Delete([]byte(enc))
			if e.key.Kind() == KindString {
				full := e.key.Str()
				for i := 0; i < len(full); i++ {
					batch.Delete(suffixEntryKey(e.col, e.field, full[i:], full))
				}
			}
		}
	}
	if err := x.db.Write(batch, nil); err != nil {
		return xerrors.Errorf("btree: flushing %d keys: %w", len(x.cache), err)
	}
	x.cache = make(map[string]*cacheEntry)
	x.ops = 0
	return nil
}

func (x *Indexer) storedDocs(enc []byte) (*bitvector.BitVector, error) {
	val, err := x.db.Get(enc, nil)
	if err != nil {
		if err == leveldb.ErrNotFound {
			return nil, nil
		}
		return nil, err
	}
	return decodeDocs(val)
}

func applyOps(stored *bitvector.BitVector, ops []logOp) *bitvector.BitVector {
	out := stored.Clone()
	if out == nil {
		out = bitvector.New(0)
	}
	for _, op := range ops {
		if op.remove {
			out.Clear(op.doc)
		} else {
			out.Set(op.doc)
		}
	}
	return out
}

// encodeDocs serializes a doc set as a count followed by gap-coded ids.
func encodeDocs(v *bitvector.BitVector) []byte {
	docs := v.Slice()
	b := vbyte.PutUint32(nil, uint32(len(docs)))
	last := uint32(0)
	for i, d := range docs {
		if i == 0 {
			b = vbyte.PutUint32(b, d)
		} else {
			b = vbyte.PutUint32(b, d-last)
		}
		last = d
	}
	return b
}

func decodeDocs(b []byte) (*bitvector.BitVector, error) {
	count, n := vbyte.Uint32(b)
	if n == 0 {
		return nil, xerrors.New("btree: corrupt doc list")
	}
	b = b[n:]
	v := bitvector.New(0)
	last := uint32(0)
	for i := uint32(0); i < count; i++ {
		gap, n := vbyte.Uint32(b)
		if n == 0 {
			return nil, xerrors.New("btree: truncated doc list")
		}
		b = b[n:]
		if i == 0 {
			last = gap
		} else {
			last += gap
		}
		v.Set(last)
	}
	return v, nil
}

// Get returns the doc set stored under key, overlaying unflushed log
// entries.
func (x *Indexer) Get(col, field uint16, key Key) (*bitvector.BitVector, error) {
	x.mu.RLock()
	defer x.mu.RUnlock()
	return x.getLocked(col, field, key)
}

func (x *Indexer) getLocked(col, field uint16, key Key) (*bitvector.BitVector, error) {
	enc := key.encode(col, field)
	stored, err := x.storedDocs(enc)
	if err != nil {
		return nil, err
	}
	if e, ok := x.cache[string(enc)]; ok {
		return applyOps(stored, e.ops), nil
	}
	if stored == nil {
		return bitvector.New(0), nil
	}
	return stored, nil
}

// Seek reports whether any document carries the key.
func (x *Indexer) Seek(col, field uint16, key Key) (bool, error) {
	v, err := x.Get(col, field, key)
	if err != nil {
		return false, err
	}
	return v.Any(), nil
}

// Count returns the number of distinct live keys of the field. The
// value is cached until the next mutation.
func (x *Indexer) Count(col, field uint16) (int, error) {
	x.mu.RLock()
	if n, ok := x.counts[uint32(col)<<16|uint32(field)]; ok {
		x.mu.RUnlock()
		return n, nil
	}
	x.mu.RUnlock()

	x.mu.Lock()
	defer x.mu.Unlock()
	if n, ok := x.counts[uint32(col)<<16|uint32(field)]; ok {
		return n, nil
	}
	n := 0
	seen := make(map[string]bool)
	for _, kind := range []Kind{KindInt, KindUint, KindFloat, KindString} {
		iter := x.db.NewIterator(util.BytesPrefix(keyPrefix(col, field, kind)), nil)
		for iter.Next() {
			seen[string(iter.Key())] = true
		}
		iter.Release()
		if err := iter.Error(); err != nil {
			return 0, err
		}
	}
	for enc, e := range x.cache {
		if e.col != col || e.field != field {
			continue
		}
		v, err := x.getLocked(col, field, e.key)
		if err != nil {
			return 0, err
		}
		if v.Any() {
			seen[enc] = true
		} else {
			delete(seen, enc)
		}
	}
	n = len(seen)
	x.counts[uint32(col)<<16|uint32(field)] = n
	return n, nil
}

// scan unions every doc set whose encoded key falls in [start, limit)
// into out, overlaying the write log.
func (x *Indexer) scan(col, field uint16, start, limit []byte, out *bitvector.BitVector) error {
	iter := x.db.NewIterator(&util.Range{Start: start, Limit: limit}, nil)
	for iter.Next() {
		if _, ok := x.cache[string(iter.Key())]; ok {
			continue // overlaid below
		}
		v, err := decodeDocs(iter.Value())
		if err != nil {
			iter.Release()
			return err
		}
		out.Union(v)
	}
	iter.Release()
	if err := iter.Error(); err != nil {
		return err
	}
	for enc, e := range x.cache {
		if e.col != col || e.field != field {
			continue
		}
		k := []byte(enc)
		if bytes.Compare(k, start) < 0 || (limit != nil && bytes.Compare(k, limit) >= 0) {
			continue
		}
		v, err := x.getLocked(col, field, e.key)
		if err != nil {
			return err
		}
		out.Union(v)
	}
	return nil
}

// kindBounds returns the [start, limit) covering a whole kind
// partition.
func kindBounds(col, field uint16, kind Kind) (start, limit []byte) {
	r := util.BytesPrefix(keyPrefix(col, field, kind))
	return r.Start, r.Limit
}

// Range unions the doc sets of every key in [lo, hi].
func (x *Indexer) Range(col, field uint16, lo, hi Key) (*bitvector.BitVector, error) {
	if _, err := Compare(lo, hi); err != nil {
		return nil, err
	}
	if c, _ := Compare(lo, hi); c > 0 {
		return bitvector.New(0), nil
	}
	x.mu.RLock()
	defer x.mu.RUnlock()
	out := bitvector.New(0)
	start := lo.encode(col, field)
	limit := append(hi.encode(col, field), 0) // inclusive upper bound
	if err := x.scan(col, field, start, limit, out); err != nil {
		return nil, err
	}
	return out, nil
}

// Less unions the doc sets of every key strictly below key.
func (x *Indexer) Less(col, field uint16, key Key) (*bitvector.BitVector, error) {
	return x.boundScan(col, field, key, false, true)
}

// LessEqual unions the doc sets of every key at or below key.
func (x *Indexer) LessEqual(col, field uint16, key Key) (*bitvector.BitVector, error) {
	return x.boundScan(col, field, key, true, true)
}

// Greater unions the doc sets of every key strictly above key.
func (x *Indexer) Greater(col, field uint16, key Key) (*bitvector.BitVector, error) {
	return x.boundScan(col, field, key, false, false)
}

// GreaterEqual unions the doc sets of every key at or above key.
func (x *Indexer) GreaterEqual(col, field uint16, key Key) (*bitvector.BitVector, error) {
	return x.boundScan(col, field, key, true, false)
}

func (x *Indexer) boundScan(col, field uint16, key Key, inclusive, below bool) (*bitvector.BitVector, error) {
	if !key.Valid() {
		return nil, xerrors.New("btree: invalid key")
	}
	x.mu.RLock()
	defer x.mu.RUnlock()
	kStart, kLimit := kindBounds(col, field, key.Kind())
	enc := key.encode(col, field)
	var start, limit []byte
	if below {
		start = kStart
		limit = enc
		if inclusive {
			limit = append(enc, 0)
		}
	} else {
		start = enc
		if !inclusive {
			start = append(enc, 0)
		}
		limit = kLimit
	}
	out := bitvector.New(0)
	if err := x.scan(col, field, start, limit, out); err != nil {
		return nil, err
	}
	return out, nil
}

// StartsWith unions the doc sets of every string key with the given
// prefix.
func (x *Indexer) StartsWith(col, field uint16, prefix string) (*bitvector.BitVector, error) {
	x.mu.RLock()
	defer x.mu.RUnlock()
	r := util.BytesPrefix(StringKey(prefix).encode(col, field))
	out := bitvector.New(0)
	if err := x.scan(col, field, r.Start, r.Limit, out); err != nil {
		return nil, err
	}
	return out, nil
}

// EndsWith unions the doc sets of every string key with the given
// suffix, resolved through the tail table.
func (x *Indexer) EndsWith(col, field uint16, suffix string) (*bitvector.BitVector, error) {
	return x.suffixScan(col, field, suffix, true)
}

// Contains unions the doc sets of every string key containing the given
// substring.
func (x *Indexer) Contains(col, field uint16, sub string) (*bitvector.BitVector, error) {
	return x.suffixScan(col, field, sub, false)
}

func (x *Indexer) suffixScan(col, field uint16, s string, exact bool) (*bitvector.BitVector, error) {
	x.mu.RLock()
	defer x.mu.RUnlock()
	out := bitvector.New(0)

	// Tails in the store. An exact tail match is a suffix of the full
	// key; a tail that merely begins with s marks a substring match.
	prefix := keyPrefix(col, field, kindSuffix)
	prefix = append(prefix, s...)
	if exact {
		prefix = append(prefix, suffixSep)
	}
	iter := x.db.NewIterator(util.BytesPrefix(prefix), nil)
	seen := make(map[string]bool)
	for iter.Next() {
		k := iter.Key()
		i := bytes.LastIndexByte(k, suffixSep)
		if i < 0 {
			continue
		}
		full := string(k[i+1:])
		if seen[full] {
			continue
		}
		seen[full] = true
		v, err := x.getLocked(col, field, StringKey(full))
		if err != nil {
			iter.Release()
			return nil, err
		}
		out.Union(v)
	}
	iter.Release()
	if err := iter.Error(); err != nil {
		return nil, err
	}

	// Strings still only in the write log.
	for _, e := range x.cache {
		if e.col != col || e.field != field || e.key.Kind() != KindString || seen[e.key.Str()] {
			continue
		}
		full := e.key.Str()
		match := false
		if exact {
			match = len(full) >= len(s) && full[len(full)-len(s):] == s
		} else {
			match = bytes.Contains([]byte(full), []byte(s))
		}
		if !match {
			continue
		}
		v, err := x.getLocked(col, field, e.key)
		if err != nil {
			return nil, err
		}
		out.Union(v)
	}
	return out, nil
}

package cooper

import "github.com/gocooper/cooper/internal/btree"

// Key is a typed secondary-index key: a tagged union over signed and
// unsigned integers, floats, and strings. 32-bit values are widened on
// construction, so Int32Key(5) and Int64Key(5) address the same entry.
type Key = btree.Key

// Kind tags a Key's value type.
type Kind = btree.Kind

const (
	KindInt    = btree.KindInt
	KindUint   = btree.KindUint
	KindFloat  = btree.KindFloat
	KindString = btree.KindString
)

func Int32Key(v int32) Key     { return btree.Int32Key(v) }
func Int64Key(v int64) Key     { return btree.Int64Key(v) }
func Uint32Key(v uint32) Key   { return btree.Uint32Key(v) }
func Uint64Key(v uint64) Key   { return btree.Uint64Key(v) }
func Float32Key(v float32) Key { return btree.Float32Key(v) }
func Float64Key(v float64) Key { return btree.Float64Key(v) }
func StringKey(v string) Key   { return btree.StringKey(v) }

// CompareKeys orders two keys of the same kind; comparing across kinds
// is an error.
func CompareKeys(a, b Key) (int, error) { return btree.Compare(a, b) }

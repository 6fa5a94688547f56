package btree

import (
	"path/filepath"
	"testing"

	"github.com/google/go-cmp/cmp"
)

func openIndexer(t *testing.T, cacheEntries int) *Indexer {
	t.Helper()
	x, err := Open(filepath.Join(t.TempDir(), "bt"), cacheEntries)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { x.Close() })
	return x
}

func docsOf(t *testing.T, x *Indexer, col, field uint16, key Key) []uint32 {
	t.Helper()
	v, err := x.Get(col, field, key)
	if err != nil {
		t.Fatal(err)
	}
	return v.Slice()
}

func TestAddRemoveGet(t *testing.T) {
	t.Parallel()

	x := openIndexer(t, 0)
	if err := x.Add(0, 1, Int64Key(5), 1); err != nil {
		t.Fatal(err)
	}
	if err := x.Add(0, 1, Int64Key(5), 2); err != nil {
		t.Fatal(err)
	}
	if err := x.Remove(0, 1, Int64Key(5), 1); err != nil {
		t.Fatal(err)
	}

	// Before the flush the result comes from the write log...
	if diff := cmp.Diff([]uint32{2}, docsOf(t, x, 0, 1, Int64Key(5))); diff != "" {
		t.Fatalf("pre-flush Get(5) diff (-want +got):\n%s", diff)
	}
	if err := x.Flush(); err != nil {
		t.Fatal(err)
	}
	// ...and after it from the backing store.
	if diff := cmp.Diff([]uint32{2}, docsOf(t, x, 0, 1, Int64Key(5))); diff != "" {
		t.Fatalf("post-flush Get(5) diff (-want +got):\n%s", diff)
	}

	v, err := x.Range(0, 1, Int64Key(3), Int64Key(7))
	if err != nil {
		t.Fatal(err)
	}
	if diff := cmp.Diff([]uint32{2}, v.Slice()); diff != "" {
		t.Fatalf("Range(3, 7) diff (-want +got):\n%s", diff)
	}
}

func TestGetMergesLogOverStore(t *testing.T) {
	t.Parallel()

	x := openIndexer(t, 0)
	if err := x.Add(0, 1, Uint64Key(9), 4); err != nil {
		t.Fatal(err)
	}
	if err := x.Flush(); err != nil {
		t.Fatal(err)
	}
	if err := x.Remove(0, 1, Uint64Key(9), 4); err != nil {
		t.Fatal(err)
	}
	if err := x.Add(0, 1, Uint64Key(9), 7); err != nil {
		t.Fatal(err)
	}
	if diff := cmp.Diff([]uint32{7}, docsOf(t, x, 0, 1, Uint64Key(9))); diff != "" {
		t.Fatalf("Get diff (-want +got):\n%s", diff)
	}
	ok, err := x.Seek(0, 1, Uint64Key(9))
	if err != nil || !ok {
		t.Fatalf("Seek = %v, %v, want true", ok, err)
	}
}

func TestRangeAndBounds(t *testing.T) {
	t.Parallel()

	x := openIndexer(t, 0)
	for doc, v := range map[uint32]int64{1: -10, 2: -1, 3: 0, 4: 5, 5: 100} {
		if err := x.Add(0, 2, Int64Key(v), doc); err != nil {
			t.Fatal(err)
		}
	}
	if err := x.Flush(); err != nil {
		t.Fatal(err)
	}
	for _, tt := range []struct {
		name string
		got  func() ([]uint32, error)
		want []uint32
	}{
		{"range", func() ([]uint32, error) {
			v, err := x.Range(0, 2, Int64Key(-1), Int64Key(5))
			return v.Slice(), err
		}, []uint32{2, 3, 4}},
		{"less", func() ([]uint32, error) {
			v, err := x.Less(0, 2, Int64Key(0))
			return v.Slice(), err
		}, []uint32{1, 2}},
		{"less_equal", func() ([]uint32, error) {
			v, err := x.LessEqual(0, 2, Int64Key(0))
			return v.Slice(), err
		}, []uint32{1, 2, 3}},
		{"greater", func() ([]uint32, error) {
			v, err := x.Greater(0, 2, Int64Key(0))
			return v.Slice(), err
		}, []uint32{4, 5}},
		{"greater_equal", func() ([]uint32, error) {
			v, err := x.GreaterEqual(0, 2, Int64Key(0))
			return v.Slice(), err
		}, []uint32{3, 4, 5}},
		{"empty_range", func() ([]uint32, error) {
			v, err := x.Range(0, 2, Int64Key(7), Int64Key(3))
			return v.Slice(), err
		}, nil},
	} {
		got, err := tt.got()
		if err != nil {
			t.Fatalf("%s: %v", tt.name, err)
		}
		if diff := cmp.Diff(tt.want, got); diff != "" {
			t.Errorf("%s diff (-want +got):\n%s", tt.name, diff)
		}
	}
}

func TestRangeSeesUnflushedKeys(t *testing.T) {
	t.Parallel()

	x := openIndexer(t, 0)
	if err := x.Add(0, 1, Float64Key(1.5), 1); err != nil {
		t.Fatal(err)
	}
	if err := x.Flush(); err != nil {
		t.Fatal(err)
	}
	if err := x.Add(0, 1, Float64Key(2.5), 2); err != nil {
		t.Fatal(err)
	}
	v, err := x.Range(0, 1, Float64Key(1.0), Float64Key(3.0))
	if err != nil {
		t.Fatal(err)
	}
	if diff := cmp.Diff([]uint32{1, 2}, v.Slice()); diff != "" {
		t.Fatalf("Range over mixed log/store diff (-want +got):\n%s", diff)
	}
}

func TestFloatOrdering(t *testing.T) {
	t.Parallel()

	x := openIndexer(t, 0)
	for doc, v := range map[uint32]float64{1: -2.5, 2: -0.5, 3: 0, 4: 0.5, 5: 2.5} {
		if err := x.Add(0, 3, Float64Key(v), doc); err != nil {
			t.Fatal(err)
		}
	}
	if err := x.Flush(); err != nil {
		t.Fatal(err)
	}
	v, err := x.Less(0, 3, Float64Key(0))
	if err != nil {
		t.Fatal(err)
	}
	if diff := cmp.Diff([]uint32{1, 2}, v.Slice()); diff != "" {
		t.Fatalf("Less(0.0) diff (-want +got):\n%s", diff)
	}
}

func TestWidenedKindsShareKeys(t *testing.T) {
	t.Parallel()

	x := openIndexer(t, 0)
	if err := x.Add(0, 1, Int32Key(5), 1); err != nil {
		t.Fatal(err)
	}
	if diff := cmp.Diff([]uint32{1}, docsOf(t, x, 0, 1, Int64Key(5))); diff != "" {
		t.Fatalf("Int32/Int64 key diff (-want +got):\n%s", diff)
	}
}

func TestKindsAreDisjoint(t *testing.T) {
	t.Parallel()

	x := openIndexer(t, 0)
	if err := x.Add(0, 1, Int64Key(5), 1); err != nil {
		t.Fatal(err)
	}
	if err := x.Add(0, 1, Uint64Key(5), 2); err != nil {
		t.Fatal(err)
	}
	if diff := cmp.Diff([]uint32{1}, docsOf(t, x, 0, 1, Int64Key(5))); diff != "" {
		t.Fatalf("int 5 diff (-want +got):\n%s", diff)
	}
	if diff := cmp.Diff([]uint32{2}, docsOf(t, x, 0, 1, Uint64Key(5))); diff != "" {
		t.Fatalf("uint 5 diff (-want +got):\n%s", diff)
	}
	if _, err := x.Range(0, 1, Int64Key(1), Uint64Key(9)); err == nil {
		t.Fatal("Range across kinds succeeded, want error")
	}
}

func TestStringQueries(t *testing.T) {
	t.Parallel()

	x := openIndexer(t, 0)
	words := map[uint32]string{
		1: "apple",
		2: "applet",
		3: "pineapple",
		4: "grape",
	}
	for doc, w := range words {
		if err := x.Add(0, 4, StringKey(w), doc); err != nil {
			t.Fatal(err)
		}
	}

	check := func(name string, got func() ([]uint32, error), want []uint32) {
		t.Helper()
		g, err := got()
		if err != nil {
			t.Fatalf("%s: %v", name, err)
		}
		if diff := cmp.Diff(want, g); diff != "" {
			t.Errorf("%s diff (-want +got):\n%s", name, diff)
		}
	}
	run := func(stage string) {
		check(stage+"/starts_with", func() ([]uint32, error) {
			v, err := x.StartsWith(0, 4, "apple")
			return v.Slice(), err
		}, []uint32{1, 2})
		check(stage+"/ends_with", func() ([]uint32, error) {
			v, err := x.EndsWith(0, 4, "apple")
			return v.Slice(), err
		}, []uint32{1, 3})
		check(stage+"/contains", func() ([]uint32, error) {
			v, err := x.Contains(0, 4, "apple")
			return v.Slice(), err
		}, []uint32{1, 2, 3})
		check(stage+"/contains_mid", func() ([]uint32, error) {
			v, err := x.Contains(0, 4, "rap")
			return v.Slice(), err
		}, []uint32{4})
	}

	// Suffix queries must see unflushed strings through the log scan...
	run("pre-flush")
	if err := x.Flush(); err != nil {
		t.Fatal(err)
	}
	// ...and flushed ones through the tail table.
	run("post-flush")

	// Removing the last document of a key retires its tails.
	if err := x.Remove(0, 4, StringKey("pineapple"), 3); err != nil {
		t.Fatal(err)
	}
	if err := x.Flush(); err != nil {
		t.Fatal(err)
	}
	check("after-remove/ends_with", func() ([]uint32, error) {
		v, err := x.EndsWith(0, 4, "apple")
		return v.Slice(), err
	}, []uint32{1})
}

func TestCount(t *testing.T) {
	t.Parallel()

	x := openIndexer(t, 0)
	if err := x.Add(0, 1, Int64Key(1), 1); err != nil {
		t.Fatal(err)
	}
	if err := x.Add(0, 1, Int64Key(2), 1); err != nil {
		t.Fatal(err)
	}
	if err := x.Add(0, 1, StringKey("x"), 2); err != nil {
		t.Fatal(err)
	}
	n, err := x.Count(0, 1)
	if err != nil {
		t.Fatal(err)
	}
	if n != 3 {
		t.Fatalf("Count = %d, want 3", n)
	}
	// Mutation invalidates the cached figure.
	if err := x.Remove(0, 1, StringKey("x"), 2); err != nil {
		t.Fatal(err)
	}
	n, err = x.Count(0, 1)
	if err != nil {
		t.Fatal(err)
	}
	if n != 2 {
		t.Fatalf("Count after remove = %d, want 2", n)
	}
}

func TestCacheFlushThreshold(t *testing.T) {
	t.Parallel()

	x := openIndexer(t, 4)
	for doc := uint32(1); doc <= 8; doc++ {
		if err := x.Add(0, 1, Uint64Key(uint64(doc%2)), doc); err != nil {
			t.Fatal(err)
		}
	}
	x.mu.RLock()
	ops := x.ops
	x.mu.RUnlock()
	if ops >= 4 {
		t.Fatalf("write log holds %d ops, threshold 4 never applied", ops)
	}
	if diff := cmp.Diff([]uint32{2, 4, 6, 8}, docsOf(t, x, 0, 1, Uint64Key(0))); diff != "" {
		t.Fatalf("Get after auto-flush diff (-want +got):\n%s", diff)
	}
}

func TestCompare(t *testing.T) {
	t.Parallel()

	for _, tt := range []struct {
		a, b Key
		want int
	}{
		{Int64Key(-5), Int64Key(3), -1},
		{Int64Key(3), Int64Key(3), 0},
		{Uint64Key(9), Uint64Key(2), 1},
		{Float64Key(-1.5), Float64Key(-0.5), -1},
		{StringKey("a"), StringKey("b"), -1},
	} {
		got, err := Compare(tt.a, tt.b)
		if err != nil {
			t.Fatal(err)
		}
		if got != tt.want {
			t.Errorf("Compare(%v, %v) = %d, want %d", tt.a, tt.b, got, tt.want)
		}
	}
	if _, err := Compare(Int64Key(1), StringKey("1")); err == nil {
		t.Error("Compare across kinds succeeded, want error")
	}
}

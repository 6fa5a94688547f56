package posting

import (
	"math/rand"
	"testing"

	"github.com/google/go-cmp/cmp"

	"github.com/gocooper/cooper/internal/store"
)

// entry is the logical content of one posting document for tests.
type entry struct {
	doc       uint32
	positions []uint32
}

func buildMem(t *testing.T, entries []entry) *InMemoryPosting {
	t.Helper()
	p := NewInMemory(NewArena(0))
	for _, e := range entries {
		for _, pos := range e.positions {
			if err := p.Add(e.doc, pos); err != nil {
				t.Fatal(err)
			}
		}
	}
	return p
}

func drain(t *testing.T, it Iterator) []entry {
	t.Helper()
	var out []entry
	for {
		ok, err := it.Next()
		if err != nil {
			t.Fatal(err)
		}
		if !ok {
			return out
		}
		e := entry{doc: it.Doc()}
		for {
			pos, ok, err := it.NextPosition()
			if err != nil {
				t.Fatal(err)
			}
			if !ok {
				break
			}
			e.positions = append(e.positions, pos)
		}
		if got, want := uint32(len(e.positions)), it.Freq(); got != want {
			t.Fatalf("doc %d: drained %d positions, Freq = %d", e.doc, got, want)
		}
		out = append(out, e)
	}
}

// writeDisk encodes it into a RAM directory and reopens it.
func writeDisk(t *testing.T, it Iterator, opts Options) (Iterator, TermStats) {
	t.Helper()
	dir := store.OpenRAM()
	outs := make(map[string]store.Output)
	for _, name := range []string{"t.dfp", "t.pop", "t.skp"} {
		out, err := dir.OpenOutput(name)
		if err != nil {
			t.Fatal(err)
		}
		outs[name] = out
	}
	w := &StreamWriter{Opts: opts}
	stats, err := w.Write(outs["t.dfp"], outs["t.pop"], outs["t.skp"], it)
	if err != nil {
		t.Fatal(err)
	}
	for _, out := range outs {
		if err := out.Close(); err != nil {
			t.Fatal(err)
		}
	}
	cursors := make(map[string]*store.Cursor)
	for _, name := range []string{"t.dfp", "t.pop", "t.skp"} {
		in, err := dir.OpenInput(name)
		if err != nil {
			t.Fatal(err)
		}
		cursors[name] = store.NewCursor(in)
	}
	end := cursors["t.dfp"].Size()
	disk, err := OpenDisk(cursors["t.dfp"], cursors["t.pop"], cursors["t.skp"],
		Record{DfpOffset: stats.DfpOffset, RecordEnd: end, DocFreq: stats.DocFreq}, opts)
	if err != nil {
		t.Fatal(err)
	}
	return disk, stats
}

func testOpts() []Options {
	return []Options{
		{Format: FormatVByte, Interval: 4, MaxLevels: 3},
		{Format: FormatBlock, Interval: 4, MaxLevels: 3, BlockSize: 8},
	}
}

func genEntries(n int, seed int64) []entry {
	rnd := rand.New(rand.NewSource(seed))
	entries := make([]entry, n)
	doc := uint32(0)
	for i := range entries {
		doc += uint32(rnd.Intn(5)) + 1
		freq := rnd.Intn(4) + 1
		pos := uint32(0)
		positions := make([]uint32, freq)
		for j := range positions {
			pos += uint32(rnd.Intn(7)) + 1
			positions[j] = pos
		}
		entries[i] = entry{doc: doc, positions: positions}
	}
	return entries
}

func TestInMemoryRoundTrip(t *testing.T) {
	t.Parallel()

	want := []entry{
		{1, []uint32{1, 5, 9}},
		{2, []uint32{3}},
		{7, []uint32{2, 4}},
	}
	p := buildMem(t, want)
	if got, want := p.DocFreq(), uint32(3); got != want {
		t.Fatalf("DocFreq = %d, want %d", got, want)
	}
	if got, want := p.CollectionTermFreq(), uint64(6); got != want {
		t.Fatalf("CollectionTermFreq = %d, want %d", got, want)
	}
	got := drain(t, p.Iterator())
	if diff := cmp.Diff(want, got, cmp.AllowUnexported(entry{})); diff != "" {
		t.Fatalf("iterator diff (-want +got):\n%s", diff)
	}
}

func TestAddRejectsRegressions(t *testing.T) {
	t.Parallel()

	p := NewInMemory(NewArena(0))
	if err := p.Add(5, 1); err != nil {
		t.Fatal(err)
	}
	if err := p.Add(5, 1); err == nil {
		t.Error("Add with repeated position succeeded, want error")
	}
	if err := p.Add(4, 1); err == nil {
		t.Error("Add with decreasing doc succeeded, want error")
	}
}

func TestDiskRoundTrip(t *testing.T) {
	t.Parallel()

	for _, opts := range testOpts() {
		opts := opts
		t.Run(formatName(opts.Format), func(t *testing.T) {
			t.Parallel()
			want := genEntries(100, 42)
			p := buildMem(t, want)
			disk, stats := writeDisk(t, p.Iterator(), opts)
			defer disk.Close()
			if got := stats.DocFreq; got != 100 {
				t.Fatalf("DocFreq = %d, want 100", got)
			}
			if got, want := disk.CollectionTermFreq(), p.CollectionTermFreq(); got != want {
				t.Fatalf("CollectionTermFreq = %d, want %d", got, want)
			}
			got := drain(t, disk)
			if diff := cmp.Diff(want, got, cmp.AllowUnexported(entry{})); diff != "" {
				t.Fatalf("disk round trip diff (-want +got):\n%s", diff)
			}
		})
	}
}

func TestSkipToMatchesNaive(t *testing.T) {
	t.Parallel()

	for _, opts := range testOpts() {
		opts := opts
		t.Run(formatName(opts.Format), func(t *testing.T) {
			t.Parallel()
			entries := genEntries(300, 7)
			p := buildMem(t, entries)
			maxDoc := entries[len(entries)-1].doc
			for target := uint32(0); target <= maxDoc+2; target += 3 {
				disk, _ := writeDisk(t, p.Iterator(), opts)
				gotDoc, gotOK, err := disk.SkipTo(target)
				if err != nil {
					t.Fatal(err)
				}
				wantDoc, wantOK := naiveSkip(entries, target)
				if gotOK != wantOK || (gotOK && gotDoc != wantDoc) {
					t.Fatalf("SkipTo(%d) = %d, %v, want %d, %v", target, gotDoc, gotOK, wantDoc, wantOK)
				}
				// Positions of the landed doc must still be readable.
				if gotOK {
					pos, ok, err := disk.NextPosition()
					if err != nil {
						t.Fatal(err)
					}
					want := positionsOf(entries, gotDoc)
					if !ok || pos != want[0] {
						t.Fatalf("SkipTo(%d): first position = %d, %v, want %d", target, pos, ok, want[0])
					}
				}
				disk.Close()
			}
		})
	}
}

func TestSkipToThenNextContinues(t *testing.T) {
	t.Parallel()

	for _, opts := range testOpts() {
		opts := opts
		t.Run(formatName(opts.Format), func(t *testing.T) {
			t.Parallel()
			entries := genEntries(200, 11)
			p := buildMem(t, entries)
			disk, _ := writeDisk(t, p.Iterator(), opts)
			defer disk.Close()
			mid := entries[97].doc
			if _, _, err := disk.SkipTo(mid); err != nil {
				t.Fatal(err)
			}
			var got []uint32
			got = append(got, disk.Doc())
			for {
				ok, err := disk.Next()
				if err != nil {
					t.Fatal(err)
				}
				if !ok {
					break
				}
				got = append(got, disk.Doc())
			}
			var want []uint32
			for _, e := range entries {
				if e.doc >= mid {
					want = append(want, e.doc)
				}
			}
			if diff := cmp.Diff(want, got); diff != "" {
				t.Fatalf("docs after SkipTo diff (-want +got):\n%s", diff)
			}
		})
	}
}

func TestMergedShadowingAndDeletes(t *testing.T) {
	t.Parallel()

	old := buildMem(t, []entry{
		{1, []uint32{1}},
		{2, []uint32{2}},
		{3, []uint32{3}},
		{5, []uint32{5}},
	})
	newer := buildMem(t, []entry{
		{2, []uint32{7, 9}}, // shadows the copy in old
		{6, []uint32{1}},
	})
	deleted := func(doc uint32) bool { return doc == 3 }

	m := NewMerged([]Iterator{old.Iterator(), newer.Iterator()}, deleted)
	got := drain(t, m)
	want := []entry{
		{1, []uint32{1}},
		{2, []uint32{7, 9}},
		{5, []uint32{5}},
		{6, []uint32{1}},
	}
	if diff := cmp.Diff(want, got, cmp.AllowUnexported(entry{})); diff != "" {
		t.Fatalf("merged diff (-want +got):\n%s", diff)
	}
}

func TestMergedSkipTo(t *testing.T) {
	t.Parallel()

	a := buildMem(t, genEntries(50, 1))
	b := buildMem(t, genEntries(80, 2))
	m := NewMerged([]Iterator{a.Iterator(), b.Iterator()}, nil)
	all := drain(t, NewMerged([]Iterator{a.Iterator(), b.Iterator()}, nil))
	target := all[len(all)/2].doc
	doc, ok, err := m.SkipTo(target)
	if err != nil {
		t.Fatal(err)
	}
	if !ok || doc != target {
		t.Fatalf("SkipTo(%d) = %d, %v", target, doc, ok)
	}
}

// Merging a single posting with itself yields (logically) itself.
func TestMergeIdempotent(t *testing.T) {
	t.Parallel()

	entries := genEntries(60, 5)
	p := buildMem(t, entries)
	m := NewMerged([]Iterator{p.Iterator(), p.Iterator()}, nil)
	got := drain(t, m)
	if diff := cmp.Diff(entries, got, cmp.AllowUnexported(entry{})); diff != "" {
		t.Fatalf("self-merge diff (-want +got):\n%s", diff)
	}
}

// Re-encoding a decoded posting must reproduce it byte for byte.
func TestReencodeStable(t *testing.T) {
	t.Parallel()

	for _, opts := range testOpts() {
		opts := opts
		t.Run(formatName(opts.Format), func(t *testing.T) {
			t.Parallel()
			entries := genEntries(120, 9)
			p := buildMem(t, entries)
			disk1, _ := writeDisk(t, p.Iterator(), opts)
			disk2, _ := writeDisk(t, disk1, opts)
			defer disk2.Close()
			got := drain(t, disk2)
			if diff := cmp.Diff(entries, got, cmp.AllowUnexported(entry{})); diff != "" {
				t.Fatalf("re-encode diff (-want +got):\n%s", diff)
			}
		})
	}
}

func formatName(f Format) string {
	if f == FormatBlock {
		return "block"
	}
	return "vbyte"
}

func naiveSkip(entries []entry, target uint32) (uint32, bool) {
	for _, e := range entries {
		if e.doc >= target {
			return e.doc, true
		}
	}
	return 0, false
}

func positionsOf(entries []entry, doc uint32) []uint32 {
	for _, e := range entries {
		if e.doc == doc {
			return e.positions
		}
	}
	return nil
}

package barrel

import (
	"testing"

	"github.com/google/go-cmp/cmp"

	"github.com/gocooper/cooper/internal/posting"
	"github.com/gocooper/cooper/internal/store"
)

// occ is one term occurrence for building test barrels.
type occ struct {
	field uint16
	term  uint32
	doc   uint32
	pos   uint32
}

func buildBarrel(t *testing.T, dir store.Directory, name string, opts posting.Options, occs []occ) {
	t.Helper()
	mem := NewMemBarrel()
	lastDoc := uint32(0)
	for _, o := range occs {
		if err := mem.AddOccurrence(o.field, "field", o.term, o.doc, o.pos); err != nil {
			t.Fatal(err)
		}
		if o.doc != lastDoc {
			mem.DocAdded()
			lastDoc = o.doc
		}
	}
	w, err := NewWriter(dir, name, opts)
	if err != nil {
		t.Fatal(err)
	}
	if err := mem.WriteTo(w); err != nil {
		t.Fatal(err)
	}
	if err := w.Close(); err != nil {
		t.Fatal(err)
	}
}

func docsOf(t *testing.T, it posting.Iterator) []uint32 {
	t.Helper()
	var docs []uint32
	for {
		ok, err := it.Next()
		if err != nil {
			t.Fatal(err)
		}
		if !ok {
			return docs
		}
		docs = append(docs, it.Doc())
	}
}

func testOpts() map[string]posting.Options {
	return map[string]posting.Options{
		"vbyte": {Format: posting.FormatVByte, Interval: 8, MaxLevels: 3},
		"block": {Format: posting.FormatBlock, Interval: 8, MaxLevels: 3, BlockSize: 16},
	}
}

func TestRoundTrip(t *testing.T) {
	t.Parallel()

	occs := []occ{
		{1, 10, 1, 1}, {1, 20, 1, 2},
		{1, 20, 2, 1}, {1, 30, 2, 2},
		{1, 10, 3, 1}, {1, 30, 3, 2},
		{2, 10, 1, 1},
		{2, 99, 3, 4},
	}
	for name, opts := range testOpts() {
		name, opts := name, opts
		t.Run(name, func(t *testing.T) {
			t.Parallel()
			dir := store.OpenRAM()
			buildBarrel(t, dir, "_0", opts, occs)

			r, err := OpenTermReader(dir, "_0", opts)
			if err != nil {
				t.Fatal(err)
			}
			defer r.Close()

			fields := r.Fields()
			if len(fields) != 2 || fields[0].ID != 1 || fields[1].ID != 2 {
				t.Fatalf("Fields = %+v, want ids 1, 2", fields)
			}

			for _, tt := range []struct {
				field uint16
				term  uint32
				want  []uint32
			}{
				{1, 10, []uint32{1, 3}},
				{1, 20, []uint32{1, 2}},
				{1, 30, []uint32{2, 3}},
				{2, 10, []uint32{1}},
				{2, 99, []uint32{3}},
			} {
				it, ok, err := r.TermDocs(tt.field, tt.term)
				if err != nil {
					t.Fatal(err)
				}
				if !ok {
					t.Fatalf("TermDocs(%d, %d): not found", tt.field, tt.term)
				}
				got := docsOf(t, it)
				it.Close()
				if diff := cmp.Diff(tt.want, got); diff != "" {
					t.Fatalf("TermDocs(%d, %d) diff (-want +got):\n%s", tt.field, tt.term, diff)
				}
			}

			if _, ok, err := r.TermDocs(1, 77); err != nil || ok {
				t.Fatalf("TermDocs(1, 77) = ok %v, err %v, want absent", ok, err)
			}
			if _, ok, err := r.TermDocs(9, 10); err != nil || ok {
				t.Fatalf("TermDocs(9, 10) = ok %v, err %v, want absent", ok, err)
			}
			if got, want := r.DocFreq(1, 10), uint32(2); got != want {
				t.Fatalf("DocFreq(1, 10) = %d, want %d", got, want)
			}
		})
	}
}

func TestPositions(t *testing.T) {
	t.Parallel()

	dir := store.OpenRAM()
	opts := testOpts()["vbyte"]
	// doc 1: "a b" -> term 2 at position 2.
	buildBarrel(t, dir, "_0", opts, []occ{
		{1, 1, 1, 1}, {1, 2, 1, 2},
		{1, 2, 2, 1}, {1, 3, 2, 2},
	})
	r, err := OpenTermReader(dir, "_0", opts)
	if err != nil {
		t.Fatal(err)
	}
	defer r.Close()
	it, ok, err := r.TermDocs(1, 2)
	if err != nil || !ok {
		t.Fatalf("TermDocs: ok %v, err %v", ok, err)
	}
	defer it.Close()
	if ok, err := it.Next(); err != nil || !ok {
		t.Fatalf("Next: %v, %v", ok, err)
	}
	pos, ok, err := it.NextPosition()
	if err != nil || !ok || pos != 2 {
		t.Fatalf("NextPosition = %d, %v, %v, want 2", pos, ok, err)
	}
}

func TestTermIterator(t *testing.T) {
	t.Parallel()

	for name, opts := range testOpts() {
		name, opts := name, opts
		t.Run(name, func(t *testing.T) {
			t.Parallel()
			dir := store.OpenRAM()
			buildBarrel(t, dir, "_3", opts, []occ{
				{1, 5, 1, 1}, {1, 9, 1, 2}, {1, 2, 2, 1},
			})
			r, err := OpenTermReader(dir, "_3", opts)
			if err != nil {
				t.Fatal(err)
			}
			defer r.Close()
			var got []uint32
			terms := r.Terms(1)
			for terms.Next() {
				got = append(got, terms.Term())
				p, err := terms.Posting()
				if err != nil {
					t.Fatal(err)
				}
				if docs := docsOf(t, p); len(docs) == 0 {
					t.Fatalf("term %d: empty posting", terms.Term())
				}
				p.Close()
			}
			if diff := cmp.Diff([]uint32{2, 5, 9}, got); diff != "" {
				t.Fatalf("terms diff (-want +got):\n%s", diff)
			}
			if r.Terms(42).Next() {
				t.Fatal("Terms on missing field yielded an entry")
			}
		})
	}
}

func TestRealtimeLookup(t *testing.T) {
	t.Parallel()

	mem := NewMemBarrel()
	for _, o := range []occ{{1, 10, 1, 1}, {1, 10, 2, 3}} {
		if err := mem.AddOccurrence(o.field, "title", o.term, o.doc, o.pos); err != nil {
			t.Fatal(err)
		}
		mem.DocAdded()
	}
	it, ok := mem.TermDocs(1, 10)
	if !ok {
		t.Fatal("TermDocs on in-memory barrel: not found")
	}
	if diff := cmp.Diff([]uint32{1, 2}, docsOf(t, it)); diff != "" {
		t.Fatalf("realtime docs diff (-want +got):\n%s", diff)
	}
	if _, ok := mem.TermDocs(1, 11); ok {
		t.Fatal("TermDocs(1, 11) found a term never added")
	}
}

func TestCorruptFooterRejected(t *testing.T) {
	t.Parallel()

	dir := store.OpenRAM()
	opts := testOpts()["vbyte"]
	buildBarrel(t, dir, "_0", opts, []occ{{1, 1, 1, 1}})

	// Truncate the dictionary so its footer lies outside the file.
	in, err := dir.OpenInput("_0.voc")
	if err != nil {
		t.Fatal(err)
	}
	b := make([]byte, in.Size())
	if _, err := in.ReadAt(b, 0); err != nil {
		t.Fatal(err)
	}
	in.Close()
	if err := dir.WriteFileAtomic("_0.voc", b[:len(b)-8]); err != nil {
		t.Fatal(err)
	}
	if _, err := OpenTermReader(dir, "_0", opts); err == nil {
		t.Fatal("OpenTermReader on truncated dictionary succeeded, want error")
	}
}

func TestRemoveAndRename(t *testing.T) {
	t.Parallel()

	dir := store.OpenRAM()
	opts := testOpts()["vbyte"]
	buildBarrel(t, dir, "_tmp", opts, []occ{{1, 1, 1, 1}})
	if err := Rename(dir, "_tmp", "_5"); err != nil {
		t.Fatal(err)
	}
	if ok, _ := dir.Exists("_tmp.voc"); ok {
		t.Fatal("_tmp.voc still present after rename")
	}
	if err := Remove(dir, "_5"); err != nil {
		t.Fatal(err)
	}
	names, err := dir.List()
	if err != nil {
		t.Fatal(err)
	}
	if len(names) != 0 {
		t.Fatalf("files remain after Remove: %v", names)
	}
}

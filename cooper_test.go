package cooper

import (
	"fmt"
	"testing"

	"github.com/google/go-cmp/cmp"
)

// Term ids used throughout: a=1, b=2, c=3.
const (
	termA = 1 + iota
	termB
	termC
)

const fieldBody = 1

func openTestIndex(t *testing.T, cfg Config) *Index {
	t.Helper()
	cfg.InMemory = true
	ix, err := Open(cfg)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { ix.Close() })
	return ix
}

func addDoc(t *testing.T, ix *Index, id uint32, terms ...uint32) {
	t.Helper()
	doc := Document{ID: id}
	doc.AddTerms(fieldBody, "body", terms...)
	if err := ix.AddDocument(doc); err != nil {
		t.Fatalf("AddDocument(%d): %v", id, err)
	}
}

func termDocs(t *testing.T, r *Reader, term uint32) []uint32 {
	t.Helper()
	it, err := r.TermDocs(fieldBody, term)
	if err != nil {
		t.Fatal(err)
	}
	defer it.Close()
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

func TestBasicIndexAndQuery(t *testing.T) {
	t.Parallel()

	ix := openTestIndex(t, Config{})
	// doc 1: "a b", doc 2: "b c", doc 3: "a c".
	addDoc(t, ix, 1, termA, termB)
	addDoc(t, ix, 2, termB, termC)
	addDoc(t, ix, 3, termA, termC)
	if err := ix.Flush(); err != nil {
		t.Fatal(err)
	}

	r, err := ix.Reader()
	if err != nil {
		t.Fatal(err)
	}
	defer r.Close()

	for term, want := range map[uint32][]uint32{
		termA: {1, 3},
		termB: {1, 2},
		termC: {2, 3},
	} {
		if diff := cmp.Diff(want, termDocs(t, r, term)); diff != "" {
			t.Errorf("term %d diff (-want +got):\n%s", term, diff)
		}
	}

	// "b" is the second token of doc 1.
	it, err := r.TermPositions(fieldBody, termB)
	if err != nil {
		t.Fatal(err)
	}
	defer it.Close()
	if ok, err := it.Next(); err != nil || !ok {
		t.Fatalf("Next: %v, %v", ok, err)
	}
	if it.Doc() != 1 {
		t.Fatalf("Doc = %d, want 1", it.Doc())
	}
	pos, ok, err := it.NextPosition()
	if err != nil || !ok || pos != 2 {
		t.Fatalf("NextPosition = %d, %v, %v, want 2", pos, ok, err)
	}

	if got, want := r.DocCount(), uint32(3); got != want {
		t.Errorf("DocCount = %d, want %d", got, want)
	}
	if got, want := r.MaxDocID(), uint32(3); got != want {
		t.Errorf("MaxDocID = %d, want %d", got, want)
	}
}

func TestGeometricMergeCompacts(t *testing.T) {
	t.Parallel()

	ix := openTestIndex(t, Config{MergeStrategy: MergeGeometric, MergeFactor: 3})
	const (
		barrels = 100
		perBar  = 1000
	)
	id := uint32(0)
	for i := 0; i < barrels; i++ {
		for j := 0; j < perBar; j++ {
			id++
			addDoc(t, ix, id, 1+id%50)
		}
		if err := ix.Flush(); err != nil {
			t.Fatal(err)
		}
	}
	ix.WaitForMerge()

	if got := ix.BarrelCount(); got > 10 {
		t.Errorf("BarrelCount = %d, want <= 10", got)
	}
	if got, want := ix.DocCount(), uint32(barrels*perBar); got != want {
		t.Errorf("DocCount = %d, want %d", got, want)
	}

	r, err := ix.Reader()
	if err != nil {
		t.Fatal(err)
	}
	defer r.Close()
	docs := termDocs(t, r, 1+7)
	if len(docs) != barrels*perBar/50 {
		t.Errorf("term 8: %d docs, want %d", len(docs), barrels*perBar/50)
	}
	for i := 1; i < len(docs); i++ {
		if docs[i] <= docs[i-1] {
			t.Fatalf("doc ids not increasing at %d: %d then %d", i, docs[i-1], docs[i])
		}
	}
}

func TestUpdateVisibleWithoutMerge(t *testing.T) {
	t.Parallel()

	ix := openTestIndex(t, Config{MergeStrategy: MergeNone})
	for id := uint32(1); id <= 50; id++ {
		addDoc(t, ix, id, termA)
	}
	if err := ix.Flush(); err != nil {
		t.Fatal(err)
	}

	upd := Document{ID: 42}
	upd.AddTerms(fieldBody, "body", termB)
	if err := ix.UpdateDocument(upd); err != nil {
		t.Fatal(err)
	}
	if err := ix.Flush(); err != nil {
		t.Fatal(err)
	}

	r, err := ix.Reader()
	if err != nil {
		t.Fatal(err)
	}
	defer r.Close()

	for _, doc := range termDocs(t, r, termA) {
		if doc == 42 {
			t.Error("doc 42 still listed under its old term")
		}
	}
	if diff := cmp.Diff([]uint32{42}, termDocs(t, r, termB)); diff != "" {
		t.Errorf("new term diff (-want +got):\n%s", diff)
	}

	// A later merge folds the old copy away and nothing changes for
	// queries.
	if err := ix.Optimize(); err != nil {
		t.Fatal(err)
	}
	ix.WaitForMerge()
	r2, err := r.Reopen()
	if err != nil {
		t.Fatal(err)
	}
	defer r2.Close()
	if got := ix.BarrelCount(); got != 1 {
		t.Fatalf("BarrelCount after optimize = %d, want 1", got)
	}
	for _, doc := range termDocs(t, r2, termA) {
		if doc == 42 {
			t.Error("after merge, doc 42 still listed under its old term")
		}
	}
	if diff := cmp.Diff([]uint32{42}, termDocs(t, r2, termB)); diff != "" {
		t.Errorf("after merge, new term diff (-want +got):\n%s", diff)
	}
}

func TestPauseResumeOptimize(t *testing.T) {
	t.Parallel()

	ix := openTestIndex(t, Config{MergeStrategy: MergeGeometric, MergeFactor: 3})
	ix.PauseMerge()

	id := uint32(0)
	for i := 0; i < 5; i++ {
		for j := 0; j < 10; j++ {
			id++
			addDoc(t, ix, id, 1+id%7)
		}
		if err := ix.Flush(); err != nil {
			t.Fatal(err)
		}
	}
	if got := ix.BarrelCount(); got != 5 {
		t.Fatalf("BarrelCount while paused = %d, want 5", got)
	}

	r, err := ix.Reader()
	if err != nil {
		t.Fatal(err)
	}
	before := make(map[uint32][]uint32)
	for term := uint32(1); term <= 7; term++ {
		before[term] = termDocs(t, r, term)
	}
	r.Close()

	ix.ResumeMerge()
	if err := ix.Optimize(); err != nil {
		t.Fatal(err)
	}
	ix.WaitForMerge()
	if got := ix.BarrelCount(); got != 1 {
		t.Fatalf("BarrelCount after optimize = %d, want 1", got)
	}

	r2, err := ix.Reader()
	if err != nil {
		t.Fatal(err)
	}
	defer r2.Close()
	for term := uint32(1); term <= 7; term++ {
		if diff := cmp.Diff(before[term], termDocs(t, r2, term)); diff != "" {
			t.Errorf("term %d changed across optimize (-before +after):\n%s", term, diff)
		}
	}
}

func TestDeleteDocument(t *testing.T) {
	t.Parallel()

	ix := openTestIndex(t, Config{MergeStrategy: MergeNone})
	for id := uint32(1); id <= 5; id++ {
		addDoc(t, ix, id, termA)
	}
	if err := ix.Flush(); err != nil {
		t.Fatal(err)
	}
	if err := ix.DeleteDocument(0, 3); err != nil {
		t.Fatal(err)
	}

	r, err := ix.Reader()
	if err != nil {
		t.Fatal(err)
	}
	defer r.Close()
	if diff := cmp.Diff([]uint32{1, 2, 4, 5}, termDocs(t, r, termA)); diff != "" {
		t.Errorf("docs after delete diff (-want +got):\n%s", diff)
	}
	if got, want := r.DocCount(), uint32(4); got != want {
		t.Errorf("DocCount = %d, want %d", got, want)
	}

	if err := ix.DeleteDocument(0, 99); err == nil {
		t.Error("DeleteDocument of unassigned id succeeded, want error")
	}
}

// A snapshot taken earlier keeps serving its barrels even after a merge
// retires them.
func TestSnapshotSurvivesMerge(t *testing.T) {
	t.Parallel()

	ix := openTestIndex(t, Config{MergeStrategy: MergeNone})
	id := uint32(0)
	for i := 0; i < 3; i++ {
		for j := 0; j < 5; j++ {
			id++
			addDoc(t, ix, id, termA)
		}
		if err := ix.Flush(); err != nil {
			t.Fatal(err)
		}
	}

	r1, err := ix.Reader()
	if err != nil {
		t.Fatal(err)
	}
	defer r1.Close()
	if err := ix.Optimize(); err != nil {
		t.Fatal(err)
	}
	ix.WaitForMerge()

	// The old snapshot still reads the retired barrels.
	if diff := cmp.Diff(uint32(15), uint32(len(termDocs(t, r1, termA)))); diff != "" {
		t.Errorf("old snapshot diff (-want +got):\n%s", diff)
	}
	if r1.BarrelCount() != 3 {
		t.Errorf("old snapshot BarrelCount = %d, want 3", r1.BarrelCount())
	}

	r2, err := r1.Reopen()
	if err != nil {
		t.Fatal(err)
	}
	defer r2.Close()
	if r2.BarrelCount() != 1 {
		t.Errorf("reopened BarrelCount = %d, want 1", r2.BarrelCount())
	}
	if got := len(termDocs(t, r2, termA)); got != 15 {
		t.Errorf("reopened snapshot: %d docs, want 15", got)
	}
}

func TestRealtimeMode(t *testing.T) {
	t.Parallel()

	ix := openTestIndex(t, Config{IndexMode: "realtime"})
	addDoc(t, ix, 1, termA)

	r, err := ix.Reader()
	if err != nil {
		t.Fatal(err)
	}
	defer r.Close()
	// Visible before any flush.
	if diff := cmp.Diff([]uint32{1}, termDocs(t, r, termA)); diff != "" {
		t.Errorf("realtime diff (-want +got):\n%s", diff)
	}

	// The default mode needs the flush + reopen.
	ix2 := openTestIndex(t, Config{})
	addDoc(t, ix2, 1, termA)
	r2, err := ix2.Reader()
	if err != nil {
		t.Fatal(err)
	}
	defer r2.Close()
	if got := termDocs(t, r2, termA); len(got) != 0 {
		t.Errorf("default mode: unflushed doc already visible: %v", got)
	}
	if err := ix2.Flush(); err != nil {
		t.Fatal(err)
	}
	r3, err := r2.Reopen()
	if err != nil {
		t.Fatal(err)
	}
	defer r3.Close()
	if diff := cmp.Diff([]uint32{1}, termDocs(t, r3, termA)); diff != "" {
		t.Errorf("after flush+reopen diff (-want +got):\n%s", diff)
	}
}

func TestMonotoneIDsEnforced(t *testing.T) {
	t.Parallel()

	ix := openTestIndex(t, Config{})
	addDoc(t, ix, 5, termA)
	doc := Document{ID: 5}
	doc.AddTerms(fieldBody, "body", termB)
	if err := ix.AddDocument(doc); err == nil {
		t.Fatal("re-adding id 5 succeeded, want error")
	}
	doc.ID = 3
	if err := ix.AddDocument(doc); err == nil {
		t.Fatal("adding id 3 after 5 succeeded, want error")
	}
}

func TestValueQueriesThroughDocuments(t *testing.T) {
	t.Parallel()

	ix := openTestIndex(t, Config{})
	const priceField = 9
	for id, price := range []int64{10, 25, 50} {
		id := uint32(id) + 1
		doc := Document{ID: id}
		doc.AddTerms(fieldBody, "body", termA)
		doc.AddValue(priceField, "price", Int64Key(price))
		if err := ix.AddDocument(doc); err != nil {
			t.Fatal(err)
		}
	}
	v, err := ix.ValueBetween(0, priceField, Int64Key(20), Int64Key(60))
	if err != nil {
		t.Fatal(err)
	}
	if diff := cmp.Diff([]uint32{2, 3}, v.Slice()); diff != "" {
		t.Errorf("ValueBetween diff (-want +got):\n%s", diff)
	}
	n, err := ix.ValueKeyCount(0, priceField)
	if err != nil {
		t.Fatal(err)
	}
	if n != 3 {
		t.Errorf("ValueKeyCount = %d, want 3", n)
	}
}

func TestBlockModeEndToEnd(t *testing.T) {
	t.Parallel()

	ix := openTestIndex(t, Config{IndexMode: "default:block", MergeStrategy: MergeNone})
	var want []uint32
	for id := uint32(1); id <= 500; id++ {
		addDoc(t, ix, id, termA, 1+id%13)
		want = append(want, id)
	}
	if err := ix.Flush(); err != nil {
		t.Fatal(err)
	}
	r, err := ix.Reader()
	if err != nil {
		t.Fatal(err)
	}
	defer r.Close()
	if diff := cmp.Diff(want, termDocs(t, r, termA)); diff != "" {
		t.Errorf("block mode diff (-want +got):\n%s", diff)
	}

	it, err := r.TermDocs(fieldBody, termA)
	if err != nil {
		t.Fatal(err)
	}
	defer it.Close()
	doc, ok, err := it.SkipTo(321)
	if err != nil || !ok || doc != 321 {
		t.Fatalf("SkipTo(321) = %d, %v, %v", doc, ok, err)
	}
}

func TestConfigValidation(t *testing.T) {
	t.Parallel()

	for name, cfg := range map[string]Config{
		"missing-location": {},
		"bad-strategy":     {InMemory: true, MergeStrategy: "sometimes"},
		"bad-mode":         {InMemory: true, IndexMode: "turbo"},
		"bad-cron":         {InMemory: true, OptimizeSchedule: "not a cron line"},
	} {
		name, cfg := name, cfg
		t.Run(name, func(t *testing.T) {
			t.Parallel()
			if _, err := Open(cfg); err == nil {
				t.Fatalf("Open(%+v) succeeded, want error", cfg)
			}
		})
	}
}

func TestOptimizeScheduleAccepted(t *testing.T) {
	t.Parallel()

	// Firing at most once a year keeps the schedule inert during the
	// test; only wiring is exercised here.
	ix := openTestIndex(t, Config{OptimizeSchedule: "0 0 1 1 *"})
	addDoc(t, ix, 1, termA)
	if err := ix.Flush(); err != nil {
		t.Fatal(err)
	}
}

func TestImmediateStrategy(t *testing.T) {
	t.Parallel()

	ix := openTestIndex(t, Config{MergeStrategy: MergeImmediate})
	id := uint32(0)
	for i := 0; i < 4; i++ {
		for j := 0; j < 10; j++ {
			id++
			addDoc(t, ix, id, termA)
		}
		if err := ix.Flush(); err != nil {
			t.Fatal(err)
		}
	}
	ix.WaitForMerge()
	if got := ix.BarrelCount(); got > 2 {
		t.Errorf("BarrelCount = %d, want <= 2 under immediate merging", got)
	}
	r, err := ix.Reader()
	if err != nil {
		t.Fatal(err)
	}
	defer r.Close()
	if got := len(termDocs(t, r, termA)); got != 40 {
		t.Errorf("%d docs after merging, want 40", got)
	}
}

func TestMultiCollectionBases(t *testing.T) {
	t.Parallel()

	ix := openTestIndex(t, Config{MergeStrategy: MergeNone})
	for i, col := range []uint16{0, 0, 1, 1, 0} {
		doc := Document{Collection: col, ID: uint32(i) + 1}
		doc.AddTerms(fieldBody, "body", termA)
		if err := ix.AddDocument(doc); err != nil {
			t.Fatal(err)
		}
	}
	if err := ix.Flush(); err != nil {
		t.Fatal(err)
	}
	ix.mu.Lock()
	b := ix.info.Barrels[0]
	ix.mu.Unlock()
	want := map[uint16]uint32{0: 1, 1: 3}
	if diff := cmp.Diff(want, b.BaseDocIDs); diff != "" {
		t.Errorf("BaseDocIDs diff (-want +got):\n%s", diff)
	}
}

// Sanity-check the growth of barrel names across flushes and merges.
func TestBarrelNaming(t *testing.T) {
	t.Parallel()

	ix := openTestIndex(t, Config{MergeStrategy: MergeNone})
	for i := 0; i < 3; i++ {
		addDoc(t, ix, uint32(i)+1, termA)
		if err := ix.Flush(); err != nil {
			t.Fatal(err)
		}
	}
	ix.mu.Lock()
	var names []string
	for _, b := range ix.info.Barrels {
		names = append(names, b.Name)
	}
	ix.mu.Unlock()
	if diff := cmp.Diff([]string{"_0", "_1", "_2"}, names); diff != "" {
		t.Errorf("names diff (-want +got):\n%s", diff)
	}
}

func ExampleIndex() {
	ix, err := Open(Config{InMemory: true})
	if err != nil {
		panic(err)
	}
	defer ix.Close()

	doc := Document{ID: 1}
	doc.AddTerms(1, "body", 10, 11, 10)
	if err := ix.AddDocument(doc); err != nil {
		panic(err)
	}
	if err := ix.Flush(); err != nil {
		panic(err)
	}

	r, err := ix.Reader()
	if err != nil {
		panic(err)
	}
	defer r.Close()
	it, err := r.TermDocs(1, 10)
	if err != nil {
		panic(err)
	}
	defer it.Close()
	for {
		ok, err := it.Next()
		if err != nil {
			panic(err)
		}
		if !ok {
			break
		}
		fmt.Printf("doc %d freq %d\n", it.Doc(), it.Freq())
	}
	// Output: doc 1 freq 2
}

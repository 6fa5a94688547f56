package cooper

import (
	"log"
	"sync"

	"golang.org/x/xerrors"

	"github.com/gocooper/cooper/bitvector"
	"github.com/gocooper/cooper/internal/barrel"
	"github.com/gocooper/cooper/internal/manifest"
	"github.com/gocooper/cooper/internal/posting"
)

// mergeScheduler runs the single background merge worker of an index.
// The writer is the sole producer of barrel offers; optimize requests
// come from the public API and the cron schedule.
type mergeScheduler struct {
	ix   *Index
	reqs chan mergeRequest
	quit chan struct{}
	idle chan struct{} // closed when the worker exits

	mu       sync.Mutex
	cond     *sync.Cond
	pending  int
	paused   bool
	stopped  bool
	degraded bool
}

type mergeRequest struct {
	optimize bool
}

func newMergeScheduler(ix *Index) *mergeScheduler {
	s := &mergeScheduler{
		ix:   ix,
		reqs: make(chan mergeRequest, 128),
		quit: make(chan struct{}),
		idle: make(chan struct{}),
	}
	s.cond = sync.NewCond(&s.mu)
	return s
}

func (s *mergeScheduler) run() {
	go s.loop()
}

// offerBarrel notifies the worker that a flush sealed a new barrel.
// The offer is dropped when the queue is full: the writer calls this
// while holding the index mutex, which the worker also needs, and every
// later offer replans over the whole manifest anyway.
func (s *mergeScheduler) offerBarrel(name string) {
	s.enqueue(mergeRequest{}, false)
}

// offerOptimize requests a full merge down to one barrel.
func (s *mergeScheduler) offerOptimize() {
	s.enqueue(mergeRequest{optimize: true}, true)
}

func (s *mergeScheduler) enqueue(req mergeRequest, block bool) {
	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()
		return
	}
	s.pending++
	s.mu.Unlock()
	drop := func() {
		s.mu.Lock()
		s.pending--
		s.cond.Broadcast()
		s.mu.Unlock()
	}
	if block {
		select {
		case s.reqs <- req:
		case <-s.quit:
			drop()
		}
		return
	}
	select {
	case s.reqs <- req:
	default:
		drop()
	}
}

// pause blocks new merges; the merge in progress completes.
func (s *mergeScheduler) pause() {
	s.mu.Lock()
	s.paused = true
	s.mu.Unlock()
}

func (s *mergeScheduler) resume() {
	s.mu.Lock()
	s.paused = false
	s.cond.Broadcast()
	s.mu.Unlock()
}

// wait blocks until the queue is drained and no merge is running.
func (s *mergeScheduler) wait() {
	s.mu.Lock()
	for s.pending > 0 && !s.stopped {
		s.cond.Wait()
	}
	s.mu.Unlock()
}

// stop shuts the worker down, waiting for the merge in progress; new
// offers are rejected.
func (s *mergeScheduler) stop() {
	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()
		return
	}
	s.stopped = true
	s.paused = false
	s.cond.Broadcast()
	s.mu.Unlock()
	close(s.quit)
	<-s.idle
}

func (s *mergeScheduler) degradedState() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.degraded
}

func (s *mergeScheduler) loop() {
	defer close(s.idle)
	for {
		select {
		case <-s.quit:
			return
		case req := <-s.reqs:
			s.handle(req)
			s.mu.Lock()
			s.pending--
			s.cond.Broadcast()
			s.mu.Unlock()
		}
	}
}

// handle runs merge rounds until the policy (or the optimize goal) is
// satisfied.
func (s *mergeScheduler) handle(req mergeRequest) {
	for {
		s.mu.Lock()
		for s.paused && !s.stopped {
			s.cond.Wait()
		}
		stopped, degraded := s.stopped, s.degraded
		s.mu.Unlock()
		if stopped || degraded {
			return
		}

		s.ix.mu.Lock()
		barrels := append([]manifest.BarrelInfo(nil), s.ix.info.Barrels...)
		s.ix.mu.Unlock()

		var names []string
		if req.optimize {
			names = optimizePlan(barrels)
		} else {
			names = planMerge(s.ix.cfg.MergeStrategy, s.ix.cfg.MergeFactor, barrels)
		}
		if names == nil {
			return
		}
		if err := s.mergeWithRetries(names); err != nil {
			log.Printf("merge: giving up on %v: %v", names, err)
			s.mu.Lock()
			s.degraded = true
			s.mu.Unlock()
			return
		}
	}
}

func (s *mergeScheduler) mergeWithRetries(names []string) error {
	var err error
	for attempt := 1; attempt <= s.ix.cfg.MaxMergeRetries; attempt++ {
		if err = s.ix.runMerge(names); err == nil {
			return nil
		}
		log.Printf("merge: attempt %d of %d for %v: %v", attempt, s.ix.cfg.MaxMergeRetries, names, err)
	}
	return err
}

// countingIterator tracks the distinct documents flowing through a
// merge so the merged barrel's descriptor carries an exact count.
type countingIterator struct {
	posting.Iterator
	seen *bitvector.BitVector
}

func (c *countingIterator) Next() (bool, error) {
	ok, err := c.Iterator.Next()
	if ok {
		c.seen.Set(c.Iterator.Doc())
	}
	return ok, err
}

// runMerge rewrites the named barrels into one. On failure the manifest
// is untouched, partial output files are removed and the inputs stay
// live.
func (ix *Index) runMerge(names []string) error {
	nameSet := make(map[string]bool, len(names))
	for _, n := range names {
		nameSet[n] = true
	}

	ix.mu.Lock()
	inputs := make([]*barrelHandle, 0, len(names))
	for _, b := range ix.info.Barrels {
		if nameSet[b.Name] {
			h := ix.handles[b.Name]
			h.acquire()
			inputs = append(inputs, h)
		}
	}
	outName := ix.info.NewBarrelName()
	ix.mu.Unlock()

	release := func() {
		for _, h := range inputs {
			if h.release() {
				ix.unlinkBarrel(h)
			}
		}
	}
	defer release()

	if len(inputs) < 2 {
		return nil
	}

	ix.delMu.RLock()
	filters := make([]*bitvector.BitVector, len(inputs))
	for i, h := range inputs {
		filters[i] = ix.deletes[h.name].Clone()
	}
	ix.delMu.RUnlock()

	tmpName := outName + "~"
	w, err := barrel.NewWriter(ix.dir, tmpName, ix.popts)
	if err != nil {
		return err
	}
	seen := bitvector.New(0)
	if err := ix.mergeBarrels(w, inputs, filters, seen); err != nil {
		w.Abort()
		return err
	}
	if err := w.Close(); err != nil {
		w.Abort()
		return err
	}
	if err := barrel.Rename(ix.dir, tmpName, outName); err != nil {
		barrel.Remove(ix.dir, tmpName)
		barrel.Remove(ix.dir, outName)
		return err
	}

	merged := manifest.BarrelInfo{
		Name:       outName,
		BaseDocIDs: mergedBases(inputs),
		NumDocs:    uint32(seen.Count()),
	}
	if max, ok := seen.MaxSet(); ok {
		merged.MaxDocID = max
	}

	ix.mu.Lock()
	saved := ix.info.Clone()
	ix.info.ReplaceBarrels(nameSet, merged)
	if err := ix.info.Write(ix.dir); err != nil {
		ix.info = saved
		ix.mu.Unlock()
		barrel.Remove(ix.dir, outName)
		return err
	}
	h := &barrelHandle{name: outName, info: merged}
	h.tr, h.trErr = barrel.OpenTermReader(ix.dir, outName, ix.popts)
	ix.handles[outName] = h
	for _, in := range inputs {
		in.mu.Lock()
		in.doomed = true
		in.mu.Unlock()
		delete(ix.handles, in.name)
	}
	ix.gen++
	ix.mu.Unlock()

	// The merge folded the snapshot of masked deletions into the
	// output, so the inputs' bitvectors go with them. Deletions that
	// arrived while the merge ran were not folded; those bits move to
	// the merged barrel.
	ix.delMu.Lock()
	for i, in := range inputs {
		cur := ix.deletes[in.name]
		delete(ix.deletes, in.name)
		if cur == nil {
			continue
		}
		for _, id := range cur.Slice() {
			if filters[i].Test(id) {
				continue
			}
			v := ix.deletes[outName]
			if v == nil {
				v = bitvector.New(0)
				ix.deletes[outName] = v
			}
			v.Set(id)
		}
	}
	ix.delMu.Unlock()

	log.Printf("merge: %v -> %s (%d docs)", names, outName, merged.NumDocs)
	return nil
}

// mergeBarrels performs the field-by-field, term-by-term K-way rewrite.
func (ix *Index) mergeBarrels(w *barrel.Writer, inputs []*barrelHandle, filters []*bitvector.BitVector, seen *bitvector.BitVector) error {
	readers := make([]*barrel.TermReader, len(inputs))
	for i, h := range inputs {
		tr, err := h.reader()
		if err != nil {
			return xerrors.Errorf("merge: input %s quarantined: %v: %w", h.name, err, ErrCorrupt)
		}
		readers[i] = tr
	}

	// Union of the input field sets, in ascending id order.
	type fieldMeta struct {
		id   uint16
		name string
	}
	fieldSet := make(map[uint16]string)
	var fields []fieldMeta
	for _, tr := range readers {
		for _, f := range tr.Fields() {
			if _, ok := fieldSet[f.ID]; !ok {
				fieldSet[f.ID] = f.Name
				fields = append(fields, fieldMeta{id: f.ID, name: f.Name})
			}
		}
	}
	for i := 1; i < len(fields); i++ {
		for j := i; j > 0 && fields[j].id < fields[j-1].id; j-- {
			fields[j], fields[j-1] = fields[j-1], fields[j]
		}
	}

	for _, f := range fields {
		if err := w.BeginField(f.id, f.name); err != nil {
			return err
		}
		iters := make([]*barrel.TermIterator, len(readers))
		heads := make([]bool, len(readers))
		for i, tr := range readers {
			iters[i] = tr.Terms(f.id)
			heads[i] = iters[i].Next()
		}
		for {
			// Smallest term across the remaining dictionaries.
			var (
				min uint32
				any bool
			)
			for i, ok := range heads {
				if ok && (!any || iters[i].Term() < min) {
					min, any = iters[i].Term(), true
				}
			}
			if !any {
				break
			}
			var group []posting.Input
			for i, ok := range heads {
				if !ok || iters[i].Term() != min {
					continue
				}
				p, err := iters[i].Posting()
				if err != nil {
					closeInputs(group)
					return err
				}
				group = append(group, posting.Input{It: p, Deleted: filters[i].Test})
				heads[i] = iters[i].Next()
			}
			merged := &countingIterator{Iterator: posting.NewMergedInputs(group), seen: seen}
			err := w.AddTerm(min, merged)
			merged.Close()
			if err != nil {
				return err
			}
		}
		if err := w.EndField(); err != nil {
			return err
		}
	}
	return nil
}

func closeInputs(group []posting.Input) {
	for _, in := range group {
		in.It.Close()
	}
}

// mergedBases takes the smallest base doc id per collection across the
// inputs.
func mergedBases(inputs []*barrelHandle) map[uint16]uint32 {
	bases := make(map[uint16]uint32)
	for _, h := range inputs {
		for col, base := range h.info.BaseDocIDs {
			if cur, ok := bases[col]; !ok || base < cur {
				bases[col] = base
			}
		}
	}
	return bases
}

// unlinkBarrel removes a retired barrel's files once nothing references
// it anymore.
func (ix *Index) unlinkBarrel(h *barrelHandle) {
	if h.tr != nil {
		h.tr.Close()
	}
	if err := barrel.Remove(ix.dir, h.name); err != nil {
		log.Printf("merge: unlinking %s: %v", h.name, err)
	}
	if ok, _ := ix.dir.Exists(h.name + ".del"); ok {
		ix.dir.Delete(h.name + ".del")
	}
}

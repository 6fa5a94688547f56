package posting

// Merged combines N postings for the same term into one iterator in
// ascending doc id order. Inputs are ordered oldest barrel first; when
// two inputs carry the same doc id (an updated document not yet
// compacted away), the newest input shadows the older ones. A delete
// filter drops documents on the fly.
//
// The same iterator serves both the background merge (which re-encodes
// its output) and multi-barrel queries.
type Merged struct {
	inputs  []*mergeInput
	deleted func(doc uint32) bool

	doc    uint32
	freq   uint32
	chosen int // input currently exposing doc, -1 before Next
}

type mergeInput struct {
	it      Iterator
	deleted func(doc uint32) bool
	cur     uint32
	valid   bool
}

// Input pairs a posting with the delete filter of the barrel it came
// from. The filter applies to the input's own documents only: a doc id
// deleted in an old barrel and re-added in a newer one survives through
// the newer copy.
type Input struct {
	It      Iterator
	Deleted func(doc uint32) bool
}

// NewMerged builds a merged iterator with one filter applied to
// whichever input wins each document. deleted may be nil.
func NewMerged(oldestFirst []Iterator, deleted func(doc uint32) bool) *Merged {
	m := &Merged{deleted: deleted, chosen: -1}
	for _, it := range oldestFirst {
		m.inputs = append(m.inputs, &mergeInput{it: it})
	}
	return m
}

// NewMergedInputs builds a merged iterator with per-input delete
// filters.
func NewMergedInputs(oldestFirst []Input) *Merged {
	m := &Merged{chosen: -1}
	for _, in := range oldestFirst {
		m.inputs = append(m.inputs, &mergeInput{it: in.It, deleted: in.Deleted})
	}
	return m
}

// DocFreq returns the sum over the inputs; shadowed and deleted
// documents are not subtracted, matching the use of this figure as a
// sizing estimate across barrels.
func (m *Merged) DocFreq() uint32 {
	var sum uint32
	for _, in := range m.inputs {
		sum += in.it.DocFreq()
	}
	return sum
}

func (m *Merged) CollectionTermFreq() uint64 {
	var sum uint64
	for _, in := range m.inputs {
		sum += in.it.CollectionTermFreq()
	}
	return sum
}

func (m *Merged) Doc() uint32  { return m.doc }
func (m *Merged) Freq() uint32 { return m.freq }

func (m *Merged) Close() error {
	var first error
	for _, in := range m.inputs {
		if err := in.it.Close(); err != nil && first == nil {
			first = err
		}
	}
	return first
}

func (in *mergeInput) advance() error {
	ok, err := in.it.Next()
	if err != nil {
		return err
	}
	in.cur = in.it.Doc()
	in.valid = ok
	return nil
}

func (m *Merged) prime() error {
	for _, in := range m.inputs {
		if err := in.advance(); err != nil {
			return err
		}
	}
	m.chosen = -2 // primed
	return nil
}

func (m *Merged) Next() (bool, error) {
	if m.chosen == -1 {
		if err := m.prime(); err != nil {
			return false, err
		}
	} else if m.chosen >= 0 {
		// The input that provided the last doc was left unadvanced so
		// its positions stayed readable.
		if err := m.inputs[m.chosen].advance(); err != nil {
			return false, err
		}
		m.chosen = -2
	}
	for {
		min, any := uint32(0), false
		for _, in := range m.inputs {
			if in.valid && (!any || in.cur < min) {
				min, any = in.cur, true
			}
		}
		if !any {
			return false, nil
		}
		// Newest input wins ties; older copies of the doc are consumed
		// and discarded.
		chosen := -1
		for i, in := range m.inputs {
			if in.valid && in.cur == min {
				chosen = i
			}
		}
		for i, in := range m.inputs {
			if i != chosen && in.valid && in.cur == min {
				if err := in.advance(); err != nil {
					return false, err
				}
			}
		}
		win := m.inputs[chosen]
		if (m.deleted != nil && m.deleted(min)) || (win.deleted != nil && win.deleted(min)) {
			if err := win.advance(); err != nil {
				return false, err
			}
			continue
		}
		m.chosen = chosen
		m.doc = min
		m.freq = m.inputs[chosen].it.Freq()
		return true, nil
	}
}

func (m *Merged) NextPosition() (uint32, bool, error) {
	if m.chosen < 0 {
		return 0, false, nil
	}
	return m.inputs[m.chosen].it.NextPosition()
}

func (m *Merged) SkipTo(target uint32) (uint32, bool, error) {
	if m.chosen >= 0 && m.doc >= target {
		return m.doc, true, nil
	}
	if m.chosen == -1 {
		if err := m.prime(); err != nil {
			return 0, false, err
		}
	} else if m.chosen >= 0 {
		if err := m.inputs[m.chosen].advance(); err != nil {
			return 0, false, err
		}
		m.chosen = -2
	}
	for _, in := range m.inputs {
		if in.valid && in.cur < target {
			doc, ok, err := in.it.SkipTo(target)
			if err != nil {
				return 0, false, err
			}
			in.cur = doc
			in.valid = ok
		}
	}
	for {
		ok, err := m.Next()
		if err != nil || !ok {
			return 0, false, err
		}
		if m.doc >= target {
			return m.doc, true, nil
		}
	}
}

package main

import (
	"flag"
	"fmt"
	"hash/fnv"
	"os"
	"sort"
	"strings"
	"unicode"

	"golang.org/x/sync/errgroup"
	"golang.org/x/xerrors"

	"github.com/gocooper/cooper"
	"github.com/gocooper/cooper/internal/oninterrupt"
)

const bodyField = 1

// termID maps a token onto a stable 32-bit term id. A real deployment
// runs a dedicated id manager; hashing keeps the tool self-contained.
func termID(token string) uint32 {
	h := fnv.New32a()
	h.Write([]byte(token))
	id := h.Sum32()
	if id == 0 {
		id = 1
	}
	return id
}

func tokenize(text string) []string {
	return strings.FieldsFunc(strings.ToLower(text), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsNumber(r)
	})
}

func openIndex(location string) (*cooper.Index, error) {
	return cooper.Open(cooper.Config{Location: location})
}

func cmdindex(args []string) error {
	fs := flag.NewFlagSet("index", flag.ExitOnError)
	var (
		location = fs.String("index", "cooper.idx", "index directory")
		flushPer = fs.Int("flush_every", 0, "flush after this many documents (0: only at the end)")
	)
	fs.Parse(args)
	if fs.NArg() == 0 {
		return xerrors.New("no input files")
	}

	ix, err := openIndex(*location)
	if err != nil {
		return err
	}
	defer ix.Close()
	oninterrupt.Register(func() { ix.Close() })

	// Read files concurrently, index sequentially: doc ids must stay
	// monotone in file order.
	contents := make([]string, fs.NArg())
	var g errgroup.Group
	for i, path := range fs.Args() {
		i, path := i, path
		g.Go(func() error {
			b, err := os.ReadFile(path)
			if err != nil {
				return err
			}
			contents[i] = string(b)
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return err
	}

	base := ix.MaxDocID()
	for i, text := range contents {
		doc := cooper.Document{ID: base + uint32(i) + 1}
		terms := make([]uint32, 0, 64)
		for _, tok := range tokenize(text) {
			terms = append(terms, termID(tok))
		}
		doc.AddTerms(bodyField, "body", terms...)
		doc.AddValue(2, "size", cooper.Int64Key(int64(len(text))))
		if err := ix.AddDocument(doc); err != nil {
			return xerrors.Errorf("indexing %s: %w", fs.Args()[i], err)
		}
		if *flushPer > 0 && (i+1)%*flushPer == 0 {
			if err := ix.Flush(); err != nil {
				return err
			}
		}
	}
	if err := ix.Flush(); err != nil {
		return err
	}
	ix.WaitForMerge()
	fmt.Printf("indexed %d documents into %s (%d barrels)\n", len(contents), *location, ix.BarrelCount())
	return nil
}

func cmdsearch(args []string) error {
	fs := flag.NewFlagSet("search", flag.ExitOnError)
	location := fs.String("index", "cooper.idx", "index directory")
	fs.Parse(args)
	if fs.NArg() == 0 {
		return xerrors.New("no query terms")
	}

	ix, err := openIndex(*location)
	if err != nil {
		return err
	}
	defer ix.Close()
	r, err := ix.Reader()
	if err != nil {
		return err
	}
	defer r.Close()

	if fs.NArg() == 1 {
		it, err := r.TermDocs(bodyField, termID(strings.ToLower(fs.Arg(0))))
		if err != nil {
			return err
		}
		defer it.Close()
		var docs []uint32
		for {
			ok, err := it.Next()
			if err != nil {
				return err
			}
			if !ok {
				break
			}
			docs = append(docs, it.Doc())
		}
		fmt.Printf("%q: %d documents %v\n", fs.Arg(0), len(docs), docs)
		return nil
	}

	docs, err := phraseSearch(r, fs.Args())
	if err != nil {
		return err
	}
	fmt.Printf("%q: %d documents %v\n", strings.Join(fs.Args(), " "), len(docs), docs)
	return nil
}

// phraseSearch intersects the terms' postings and verifies adjacent
// positions.
func phraseSearch(r *cooper.Reader, words []string) ([]uint32, error) {
	its := make([]cooper.PostingIterator, len(words))
	for i, w := range words {
		it, err := r.TermDocs(bodyField, termID(strings.ToLower(w)))
		if err != nil {
			return nil, err
		}
		its[i] = it
		defer it.Close()
	}

	var docs []uint32
	target := uint32(1)
	for {
		// Align all iterators on one candidate document.
		aligned := true
		for _, it := range its {
			doc, ok, err := it.SkipTo(target)
			if err != nil {
				return nil, err
			}
			if !ok {
				return docs, nil
			}
			if doc > target {
				target = doc
				aligned = false
				break
			}
		}
		if !aligned {
			continue
		}
		ok, err := phraseAt(its)
		if err != nil {
			return nil, err
		}
		if ok {
			docs = append(docs, target)
		}
		target++
	}
}

// phraseAt checks whether the aligned document contains the words at
// consecutive positions.
func phraseAt(its []cooper.PostingIterator) (bool, error) {
	positions := make([][]uint32, len(its))
	for i, it := range its {
		for {
			pos, ok, err := it.NextPosition()
			if err != nil {
				return false, err
			}
			if !ok {
				break
			}
			positions[i] = append(positions[i], pos)
		}
	}
	sort.Slice(positions[0], func(a, b int) bool { return positions[0][a] < positions[0][b] })
	for _, start := range positions[0] {
		match := true
		for i := 1; i < len(positions); i++ {
			found := false
			for _, p := range positions[i] {
				if p == start+uint32(i) {
					found = true
					break
				}
			}
			if !found {
				match = false
				break
			}
		}
		if match {
			return true, nil
		}
	}
	return false, nil
}

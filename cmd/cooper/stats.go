package main

import (
	"flag"
	"fmt"
)

func cmdstats(args []string) error {
	fs := flag.NewFlagSet("stats", flag.ExitOnError)
	location := fs.String("index", "cooper.idx", "index directory")
	fs.Parse(args)

	ix, err := openIndex(*location)
	if err != nil {
		return err
	}
	defer ix.Close()

	fmt.Printf("barrels:  %d\n", ix.BarrelCount())
	fmt.Printf("docs:     %d\n", ix.DocCount())
	fmt.Printf("max id:   %d\n", ix.MaxDocID())
	fmt.Printf("degraded: %v\n", ix.Degraded())
	return nil
}

func cmddump(args []string) error {
	fs := flag.NewFlagSet("dump", flag.ExitOnError)
	var (
		location = fs.String("index", "cooper.idx", "index directory")
		field    = fs.Uint("field", bodyField, "field id to dump")
	)
	fs.Parse(args)

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

	fmt.Printf("fields: %v\n", r.Fields())
	fmt.Printf("barrels: %d, docs: %d, max id: %d\n", r.BarrelCount(), r.DocCount(), r.MaxDocID())
	for _, term := range r.Terms(uint16(*field)) {
		df, err := r.DocFreq(uint16(*field), term)
		if err != nil {
			return err
		}
		fmt.Printf("  term %10d  df %d\n", term, df)
	}
	return nil
}

func cmdoptimize(args []string) error {
	fs := flag.NewFlagSet("optimize", flag.ExitOnError)
	location := fs.String("index", "cooper.idx", "index directory")
	fs.Parse(args)

	ix, err := openIndex(*location)
	if err != nil {
		return err
	}
	defer ix.Close()

	before := ix.BarrelCount()
	if err := ix.Optimize(); err != nil {
		return err
	}
	ix.WaitForMerge()
	fmt.Printf("optimized: %d barrels -> %d\n", before, ix.BarrelCount())
	return nil
}

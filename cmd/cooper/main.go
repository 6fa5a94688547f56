// Command cooper indexes text files and serves term and phrase queries
// against the resulting index. It is a thin shell over the library,
// useful for poking at an index directory.
package main

import (
	"flag"
	"fmt"
	"io"
	"log"
	"os"
)

var debug = flag.Bool("debug", false, "log individual engine operations")

func main() {
	flag.Parse()
	if !*debug {
		log.SetOutput(io.Discard)
	}

	type cmd struct {
		fn func(args []string) error
	}
	verbs := map[string]cmd{
		"index":    {cmdindex},
		"search":   {cmdsearch},
		"stats":    {cmdstats},
		"dump":     {cmddump},
		"optimize": {cmdoptimize},
	}

	args := flag.Args()
	if len(args) == 0 {
		usage()
	}
	verb, args := args[0], args[1:]
	if verb == "help" {
		usage()
	}
	v, ok := verbs[verb]
	if !ok {
		fmt.Fprintf(os.Stderr, "unknown command %q\n", verb)
		usage()
	}
	if err := v.fn(args); err != nil {
		log.Fatalf("%s: %v", verb, err)
	}
}

func usage() {
	fmt.Fprintf(os.Stderr, "cooper [-flags] <command> [-flags] <args>\n")
	fmt.Fprintln(os.Stderr)
	fmt.Fprintf(os.Stderr, "\tindex    - index text files, one document per file\n")
	fmt.Fprintf(os.Stderr, "\tsearch   - look up a term or phrase\n")
	fmt.Fprintf(os.Stderr, "\tstats    - print barrel and document counts\n")
	fmt.Fprintf(os.Stderr, "\tdump     - print the manifest and dictionaries\n")
	fmt.Fprintf(os.Stderr, "\toptimize - merge all barrels into one\n")
	os.Exit(2)
}

// Command filetoexcel turns .bin or .csv captures written by collect
// into a spreadsheet with the cumulative z-score of the ones count.
//
// Usage: filetoexcel [--out dir] <capture>...
package main

import (
	"fmt"
	"os"

	"github.com/spf13/pflag"
)

func main() {
	outDir := pflag.StringP("out", "o", "", "directory for the .xlsx files (default: next to each input)")
	pflag.Usage = func() {
		fmt.Fprintln(os.Stderr, "Usage: filetoexcel [--out dir] <path-to-.bin-or-.csv>...")
		pflag.PrintDefaults()
	}
	pflag.Parse()
	if pflag.NArg() == 0 {
		pflag.Usage()
		os.Exit(2)
	}

	failed := false
	for _, path := range pflag.Args() {
		rep, err := load(path)
		if err != nil {
			fmt.Fprintf(os.Stderr, "error: %s: %v\n", path, err)
			failed = true
			continue
		}
		out, err := rep.writeExcel(*outDir)
		if err != nil {
			fmt.Fprintf(os.Stderr, "error: %s: %v\n", path, err)
			failed = true
			continue
		}
		fmt.Printf("%s -> %s (%d samples, final z=%.3f)\n", path, out, len(rep.rows), rep.rows[len(rep.rows)-1].ZScore)
	}
	if failed {
		os.Exit(1)
	}
}

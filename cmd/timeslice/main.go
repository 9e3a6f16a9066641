// Command timeslice prints a recording made with dbt -timeslice.
package main

import (
	"flag"
	"fmt"
	"os"
	"sort"
	"time"

	"github.com/tinyrange/dbt/internal/timeslice"
)

func main() {
	fs := flag.NewFlagSet(os.Args[0], flag.ExitOnError)

	filename := fs.String("filename", "", "Timeslice file to read")
	sums := fs.Bool("sums", false, "Print per-kind totals instead of every record")
	byTotal := fs.Bool("sort", false, "With -sums, order kinds by total time")

	if err := fs.Parse(os.Args[1:]); err != nil {
		os.Exit(1)
	}

	if *filename == "" {
		fs.Usage()
		os.Exit(1)
	}

	f, err := os.Open(*filename)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to open timeslice file: %v\n", err)
		os.Exit(1)
	}
	defer f.Close()

	if !*sums {
		if err := timeslice.ReadAllRecords(f, func(id string, flags timeslice.SliceFlags, duration time.Duration) error {
			fmt.Printf("%s %s %s\n", id, flags, duration)
			return nil
		}); err != nil {
			fmt.Fprintf(os.Stderr, "failed to read timeslice file: %v\n", err)
			os.Exit(1)
		}
		return
	}

	summaries, err := timeslice.Summarize(f)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to read timeslice file: %v\n", err)
		os.Exit(1)
	}
	if *byTotal {
		sort.SliceStable(summaries, func(i, j int) bool { return summaries[i].Sum > summaries[j].Sum })
	}

	var compile, guest time.Duration
	for _, s := range summaries {
		fmt.Println(s.String())
		if s.Flags&timeslice.SliceFlagCompile != 0 {
			compile += s.Sum
		}
		if s.Flags&timeslice.SliceFlagGuest != 0 {
			guest += s.Sum
		}
	}
	fmt.Printf("compile=%s guest=%s\n", compile, guest)
}

package main

import (
	"flag"
	"fmt"
	"os"

	"github.com/da-x/deltaimage/internal/engine"
	"golang.org/x/xerrors"
)

const applyHelp = `deltaimage [-d] apply <source_dir> <delta_target_dir>

Rewrite delta_target_dir in place, reconstructing the original target tree
it was diffed against: files named in the manifest's changes are rebuilt by
decoding (or, for verbatim entries, reading) against source_dir; files named
in keep_files are overwritten with their source_dir content; hardlinks are
re-established; and the manifest is deleted.
`

func cmdApply(args []string) error {
	fs := flag.NewFlagSet("apply", flag.ExitOnError)
	fs.Usage = usage(fs, applyHelp)
	fs.Parse(args)

	if fs.NArg() != 2 {
		fs.Usage()
		os.Exit(2)
	}

	sourceDir, deltaTargetDir := fs.Arg(0), fs.Arg(1)

	opts := engine.Options{}
	if debugEnabled() {
		opts.Debug = debugPrintf
	}

	stats, err := engine.Apply(sourceDir, deltaTargetDir, opts)
	if err != nil {
		return xerrors.Errorf("apply: %w", err)
	}

	if debugEnabled() {
		fmt.Fprintf(os.Stdout, "reduced size: %d, inflated size: %d\n", stats.ReducedSize, stats.TotalSize)
	}

	return nil
}

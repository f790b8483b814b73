package main

import (
	"flag"
	"fmt"
	"os"

	"github.com/da-x/deltaimage/internal/engine"
	"golang.org/x/xerrors"
)

const diffHelp = `deltaimage [-d] diff <source_dir> <target_delta_dir>

Rewrite target_delta_dir in place: every regular file also present in
source_dir is replaced by a binary patch against the source, a zero-byte
marker (if identical), or a verbatim copy (if patching failed or was unsafe
to ship). Files only present in target_delta_dir are left untouched. A
manifest recording which transformation applies to each path is written at
target_delta_dir/__deltaimage.meta.json.
`

func cmdDiff(args []string) error {
	fs := flag.NewFlagSet("diff", flag.ExitOnError)
	fs.Usage = usage(fs, diffHelp)
	fs.Parse(args)

	if fs.NArg() != 2 {
		fs.Usage()
		os.Exit(2)
	}

	sourceDir, targetDir := fs.Arg(0), fs.Arg(1)

	opts := engine.Options{}
	if debugEnabled() {
		opts.Debug = debugPrintf
	}

	stats, err := engine.Diff(sourceDir, targetDir, opts)
	if err != nil {
		return xerrors.Errorf("diff: %w", err)
	}

	if debugEnabled() {
		fmt.Fprintf(os.Stdout, "total size: %d, reduced size: %d\n", stats.TotalSize, stats.ReducedSize)
	}

	return nil
}

func debugPrintf(format string, args ...interface{}) {
	if colorize {
		fmt.Fprintf(os.Stdout, "\x1b[2m"+format+"\x1b[0m\n", args...)
		return
	}
	fmt.Fprintf(os.Stdout, format+"\n", args...)
}

// Command deltaimage computes and applies container-image deltas: compact
// descriptions of how one directory tree differs from another, suitable as
// the payload layer of a container image.
package main

import (
	"flag"
	"fmt"
	"os"

	"github.com/mattn/go-isatty"
)

var (
	debugLong  = flag.Bool("debug", false, "enable per-file progress and size-summary diagnostics")
	debugShort = flag.Bool("d", false, "shorthand for -debug")
)

func debugEnabled() bool {
	return *debugLong || *debugShort
}

var colorize = isatty.IsTerminal(os.Stdout.Fd())

func usage(fs *flag.FlagSet, help string) func() {
	return func() {
		fmt.Fprint(os.Stderr, help)
		fmt.Fprintln(os.Stderr)
		fs.PrintDefaults()
	}
}

func funcmain() error {
	flag.Parse()

	verbs := map[string]func(args []string) error{
		"diff":       cmdDiff,
		"apply":      cmdApply,
		"dockerfile": cmdDockerFile,
	}

	args := flag.Args()
	if len(args) == 0 {
		fmt.Fprintf(os.Stderr, "syntax: deltaimage [-d] <diff|apply|dockerfile> <args>\n")
		os.Exit(2)
	}

	name, rest := args[0], args[1:]
	fn, ok := verbs[name]
	if !ok {
		return fmt.Errorf("unknown command %q; want diff, apply, or dockerfile", name)
	}

	return fn(rest)
}

func main() {
	if err := funcmain(); err != nil {
		fmt.Fprintf(os.Stderr, "deltaimage: %v\n", err)
		os.Exit(1)
	}
}

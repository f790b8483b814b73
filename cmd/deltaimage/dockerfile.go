package main

import (
	"flag"
	"fmt"
	"os"
)

const dockerFileHelp = `deltaimage dockerfile diff|apply [-override-version V] <args>

Print, to stdout, a multi-stage Dockerfile recipe that invokes this binary
inside a container build. This is a thin string template: it does not touch
a filesystem itself, only describes how to wire deltaimage into a build.
`

// Version is the default recipe version, overridable with -override-version
// to pin a specific published deltaimage image tag.
const Version = "0.1.0"

func cmdDockerFile(args []string) error {
	fs := flag.NewFlagSet("dockerfile", flag.ExitOnError)
	fs.Usage = usage(fs, dockerFileHelp)
	fs.Parse(args)

	if fs.NArg() < 1 {
		fs.Usage()
		os.Exit(2)
	}

	switch fs.Arg(0) {
	case "diff":
		return dockerFileDiff(fs.Args()[1:])
	case "apply":
		return dockerFileApply(fs.Args()[1:])
	default:
		return fmt.Errorf("unknown dockerfile subcommand %q; want diff or apply", fs.Arg(0))
	}
}

func dockerFileDiff(args []string) error {
	fs := flag.NewFlagSet("dockerfile diff", flag.ExitOnError)
	overrideVersion := fs.String("override-version", "", "pin a specific deltaimage image tag instead of this binary's own version")
	unlinked := fs.Bool("unlinked", false, "diff against scratch instead of image_a as the final base")
	fs.Parse(args)

	if fs.NArg() != 2 {
		return fmt.Errorf("syntax: dockerfile diff [-override-version V] [-unlinked] <image_a> <image_b>")
	}
	imageA, imageB := fs.Arg(0), fs.Arg(1)

	version := Version
	if *overrideVersion != "" {
		version = *overrideVersion
	}

	source := imageA
	if *unlinked {
		source = "scratch"
	}

	fmt.Printf(`
# Calculate delta under a temporary image
FROM scratch AS delta
COPY --from=%s / /source/
COPY --from=%s / /delta/
COPY --from=deltaimage/deltaimage:%s /opt/deltaimage /opt/deltaimage
RUN ["/opt/deltaimage", "diff", "/source", "/delta"]

# Make the deltaimage
FROM %s
COPY --from=delta /delta /__deltaimage__.delta
`, imageA, imageB, version, source)

	return nil
}

func dockerFileApply(args []string) error {
	fs := flag.NewFlagSet("dockerfile apply", flag.ExitOnError)
	overrideVersion := fs.String("override-version", "", "pin a specific deltaimage image tag instead of this binary's own version")
	unlinkedSource := fs.String("unlinked-source", "", "copy an unlinked base image's filesystem in before applying")
	fs.Parse(args)

	if fs.NArg() != 1 {
		return fmt.Errorf("syntax: dockerfile apply [-override-version V] [-unlinked-source S] <delta_image>")
	}
	deltaImage := fs.Arg(0)

	version := Version
	if *overrideVersion != "" {
		version = *overrideVersion
	}

	copySource := ""
	if *unlinkedSource != "" {
		copySource = fmt.Sprintf("COPY --from=%s / /", *unlinkedSource)
	}

	fmt.Printf(`
# Apply a delta under a temporary image
FROM %s AS applied
%s
COPY --from=deltaimage/deltaimage:%s /opt/deltaimage /opt/deltaimage
USER root
RUN ["/opt/deltaimage", "apply", "/", "/__deltaimage__.delta"]

# Make the original image by applying the delta
FROM scratch
COPY --from=applied /__deltaimage__.delta/ /
`, deltaImage, copySource, version)

	return nil
}

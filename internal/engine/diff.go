// Package engine implements the diff/apply delta algorithm: classifying
// each file of a target tree against a source tree, rewriting it in place,
// and reconstructing it later from a source tree and the rewritten delta
// tree.
package engine

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"sort"

	"github.com/da-x/deltaimage/internal/fsmeta"
	"github.com/da-x/deltaimage/internal/manifest"
	"github.com/da-x/deltaimage/internal/xdelta"
	"github.com/google/renameio"
	"golang.org/x/xerrors"
)

// Version is stamped into every manifest this package writes.
const Version = "0.1.0"

// encodeFunc and decodeFunc indirect through the patch codec adapter so
// tests can substitute a codec with controlled failure modes (encode
// failure and round-trip mismatch are otherwise impossible to force
// against a real codec deterministically).
var (
	encodeFunc = xdelta.Encode
	decodeFunc = xdelta.Decode
)

// Logf is a debug sink; Options.Debug, when non-nil, receives one line per
// classified file plus a final size summary, mirroring the original tool's
// -d/--debug tracing.
type Logf func(format string, args ...interface{})

// Options configures a Diff or Apply run.
type Options struct {
	// Debug, if non-nil, receives per-file progress and a final size
	// summary.
	Debug Logf
}

// Stats accumulates the size accounting the original tool reports in debug
// mode: the cumulative size of target-side content examined, and the
// cumulative size of what was actually written to the delta (patches, or
// the verbatim AsIs fallback).
type Stats struct {
	TotalSize   uint64
	ReducedSize uint64
}

// ValidationError is returned when a just-produced patch fails the
// round-trip check: decode(encode(new, old), old) != new. This can only
// indicate a codec bug or a corrupted read, and diff refuses to ship such a
// patch.
type ValidationError struct {
	Path string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("round-trip validation failed for %s: codec produced a patch that does not decode back to the original content", e.Path)
}

// DeltaDirExistsError is returned when targetDir already carries a
// manifest from a previous diff. Re-diffing an already-diffed tree is
// unsupported: a second pass would classify the first pass's zero-byte
// keep markers and patch bytes as if they were original content, so Diff
// refuses up front rather than silently corrupting the tree.
type DeltaDirExistsError struct {
	Path string
}

func (e *DeltaDirExistsError) Error() string {
	return fmt.Sprintf("%s already contains a manifest (%s); re-diffing an already-diffed tree is not supported", e.Path, manifest.FileName)
}

func (o Options) logf(format string, args ...interface{}) {
	if o.Debug != nil {
		o.Debug(format, args...)
	}
}

// Diff rewrites targetDir in place so that every regular file also present
// in sourceDir is replaced by a patch against the source, a zero-byte
// marker (if identical), or a verbatim copy (if patching failed or was
// unsafe to ship). Files present only in targetDir are left untouched. A
// manifest is written at targetDir's root recording which transformation
// applies to each rewritten path.
func Diff(sourceDir, targetDir string, opts Options) (Stats, error) {
	var stats Stats

	if _, err := os.Stat(filepath.Join(targetDir, manifest.FileName)); err == nil {
		return stats, &DeltaDirExistsError{Path: targetDir}
	} else if !os.IsNotExist(err) {
		return stats, xerrors.Errorf("checking %s for an existing manifest: %w", targetDir, err)
	}

	origFiles, err := scanRegularFiles(sourceDir)
	if err != nil {
		return stats, xerrors.Errorf("scanning source tree: %w", err)
	}

	groups, err := scanHardlinkGroups(targetDir)
	if err != nil {
		return stats, xerrors.Errorf("scanning target hardlinks: %w", err)
	}

	matched, err := matchedPaths(targetDir, origFiles)
	if err != nil {
		return stats, xerrors.Errorf("scanning target tree: %w", err)
	}
	matchedSet := make(map[string]bool, len(matched))
	for _, rel := range matched {
		matchedSet[rel] = true
	}

	repOf := representatives(groups, matchedSet)

	parents := fsmeta.NewParentTracker()

	var m manifest.Manifest
	m.Version = Version

	// Classify representatives (and any non-hardlinked file) first, in
	// deterministic path order, so that every hardlink short-circuit below
	// has an already-rewritten representative to link against regardless
	// of directory traversal order.
	sorted := append([]string(nil), matched...)
	sort.Strings(sorted)

	for _, rel := range sorted {
		if rep, ok := repOf[rel]; ok && rep != rel {
			continue // non-representative hardlink member, handled below
		}

		if err := parents.Observe(filepath.Dir(filepath.Join(targetDir, rel))); err != nil {
			return stats, err
		}

		if err := classify(sourceDir, targetDir, rel, &m, &stats, opts); err != nil {
			return stats, err
		}
	}

	for _, rel := range sorted {
		rep, ok := repOf[rel]
		if !ok || rep == rel {
			continue
		}

		targetPath := filepath.Join(targetDir, rel)
		repPath := filepath.Join(targetDir, rep)

		if err := parents.Observe(filepath.Dir(targetPath)); err != nil {
			return stats, err
		}

		if err := os.Remove(targetPath); err != nil {
			return stats, xerrors.Errorf("removing %s for hardlink short-circuit: %w", targetPath, err)
		}
		if err := os.Link(repPath, targetPath); err != nil {
			return stats, xerrors.Errorf("linking %s -> %s: %w", targetPath, repPath, err)
		}

		opts.logf("Linked %s -> %s", rel, rep)
	}

	if opts.Debug != nil {
		opts.logf("Total size: %d", stats.TotalSize)
		opts.logf("Reduced size: %d", stats.ReducedSize)
	}

	if err := manifest.Write(filepath.Join(targetDir, manifest.FileName), m); err != nil {
		return stats, err
	}

	if err := parents.Restore(); err != nil {
		return stats, err
	}

	return stats, nil
}

// classify handles one matched path: compare content against the source
// and rewrite it as Keep, XDelta3, or AsIs, appending the outcome to m.
func classify(sourceDir, targetDir, rel string, m *manifest.Manifest, stats *Stats, opts Options) error {
	srcPath := filepath.Join(sourceDir, rel)
	targetPath := filepath.Join(targetDir, rel)

	oldContent, err := os.ReadFile(srcPath)
	if err != nil {
		return xerrors.Errorf("reading %s: %w", srcPath, err)
	}

	rec, err := fsmeta.Read(targetPath)
	if err != nil {
		return err
	}

	newContent, err := os.ReadFile(targetPath)
	if err != nil {
		return xerrors.Errorf("reading %s: %w", targetPath, err)
	}

	stats.TotalSize += uint64(len(newContent))

	if bytes.Equal(oldContent, newContent) {
		opts.logf("Keep %s: %d", rel, len(newContent))

		if err := rewrite(targetPath, nil, rec); err != nil {
			return err
		}
		m.KeepFiles = append(m.KeepFiles, rel)
		return nil
	}

	patch, ok := encodeFunc(newContent, oldContent)
	if ok {
		deflated, ok := decodeFunc(patch, oldContent)
		if !ok {
			opts.logf("Fallback to AsIs %s (round-trip decode failed)", rel)
			stats.ReducedSize += uint64(len(newContent))
			return asIs(targetPath, rel, newContent, rec, m, opts)
		}
		if !bytes.Equal(deflated, newContent) {
			return &ValidationError{Path: rel}
		}

		opts.logf("Modified %s: %d %d -> %d", rel, len(oldContent), len(newContent), len(patch))

		if err := rewrite(targetPath, patch, rec); err != nil {
			return err
		}
		stats.ReducedSize += uint64(len(patch))
		m.Changes = append(m.Changes, manifest.Change{Algo: manifest.XDelta3, Path: rel})
		return nil
	}

	opts.logf("Fallback to AsIs %s (encode failed)", rel)
	stats.ReducedSize += uint64(len(newContent))
	return asIs(targetPath, rel, newContent, rec, m, opts)
}

func asIs(targetPath, rel string, newContent []byte, rec fsmeta.Record, m *manifest.Manifest, opts Options) error {
	if err := rewrite(targetPath, newContent, rec); err != nil {
		return err
	}
	m.Changes = append(m.Changes, manifest.Change{Algo: manifest.AsIs, Path: rel})
	return nil
}

// rewrite atomically replaces targetPath's content with data (nil meaning
// zero bytes) and reapplies rec, the pre-rewrite metadata snapshot.
func rewrite(targetPath string, data []byte, rec fsmeta.Record) error {
	if err := renameio.WriteFile(targetPath, data, rec.Mode.Perm()); err != nil {
		return xerrors.Errorf("rewriting %s: %w", targetPath, err)
	}
	if err := fsmeta.Write(targetPath, rec); err != nil {
		return err
	}
	return nil
}

// scanRegularFiles returns the set of relative paths of regular files under
// root.
func scanRegularFiles(root string) (map[string]bool, error) {
	files := make(map[string]bool)

	err := filepath.Walk(root, func(path string, info os.FileInfo, err error) error {
		if err != nil {
			return err
		}
		if path == root || !info.Mode().IsRegular() {
			return nil
		}
		rel, err := filepath.Rel(root, path)
		if err != nil {
			return err
		}
		files[rel] = true
		return nil
	})
	if err != nil {
		return nil, err
	}

	return files, nil
}

// matchedPaths walks targetDir and returns the relative paths of regular
// files that are also present in origFiles. Paths present only in
// targetDir are left out entirely: they are untouched passthrough.
func matchedPaths(targetDir string, origFiles map[string]bool) ([]string, error) {
	var matched []string

	err := filepath.Walk(targetDir, func(path string, info os.FileInfo, err error) error {
		if err != nil {
			return err
		}
		if path == targetDir || !info.Mode().IsRegular() {
			return nil
		}
		rel, err := filepath.Rel(targetDir, path)
		if err != nil {
			return err
		}
		if origFiles[rel] {
			matched = append(matched, rel)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	return matched, nil
}


package engine

import (
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

// DeflationError is returned when an XDelta3 change cannot be decoded
// against the source during apply. Unlike the same failure during diff,
// this is always fatal: the delta tree is the only record of the original
// content, so a codec failure here means the delta is corrupt.
type DeflationError struct {
	Path string
}

func (e *DeflationError) Error() string {
	return fmt.Sprintf("failed to reconstruct %s: patch did not decode against the source", e.Path)
}

// Apply rewrites deltaTargetDir in place, reconstructing the original
// target tree: changed files are rebuilt from the manifest's changes by
// decoding (or, for AsIs entries, reading verbatim) against sourceDir;
// unchanged files are overwritten with their source content; hardlinks
// within the delta tree are re-established; and the manifest is deleted.
func Apply(sourceDir, deltaTargetDir string, opts Options) (Stats, error) {
	var stats Stats

	manifestPath := filepath.Join(deltaTargetDir, manifest.FileName)
	m, err := manifest.Read(manifestPath)
	if err != nil {
		return stats, err
	}

	groups, err := scanHardlinkGroups(deltaTargetDir)
	if err != nil {
		return stats, xerrors.Errorf("scanning delta hardlinks: %w", err)
	}

	parents := fsmeta.NewParentTracker()
	recreated := make(map[string]bool)

	changes := append([]manifest.Change(nil), m.Changes...)
	sort.Slice(changes, func(i, j int) bool { return changes[i].Path < changes[j].Path })

	for _, ch := range changes {
		if err := reconstructChange(sourceDir, deltaTargetDir, ch, parents, &stats, opts); err != nil {
			return stats, err
		}
		recreated[ch.Path] = true
	}

	keepFiles := append([]string(nil), m.KeepFiles...)
	sort.Strings(keepFiles)

	for _, rel := range keepFiles {
		if err := reconstructKeep(sourceDir, deltaTargetDir, rel, parents, &stats, opts); err != nil {
			return stats, err
		}
		recreated[rel] = true
	}

	if opts.Debug != nil {
		opts.logf("Reduced size: %d", stats.ReducedSize)
		opts.logf("Inflated size: %d", stats.TotalSize)
	}

	if err := restoreHardlinks(deltaTargetDir, groups, recreated, parents); err != nil {
		return stats, err
	}

	if err := parents.Restore(); err != nil {
		return stats, err
	}

	if err := manifest.Remove(manifestPath); err != nil {
		return stats, err
	}

	return stats, nil
}

func reconstructChange(sourceDir, deltaTargetDir string, ch manifest.Change, parents *fsmeta.ParentTracker, stats *Stats, opts Options) error {
	sourcePath := filepath.Join(sourceDir, ch.Path)
	deltaPath := filepath.Join(deltaTargetDir, ch.Path)

	orig, err := os.ReadFile(sourcePath)
	if err != nil {
		return xerrors.Errorf("reading %s: %w", sourcePath, err)
	}

	patchData, err := os.ReadFile(deltaPath)
	if err != nil {
		return xerrors.Errorf("reading %s: %w", deltaPath, err)
	}

	if err := parents.Observe(filepath.Dir(deltaPath)); err != nil {
		return err
	}

	rec, err := fsmeta.Read(deltaPath)
	if err != nil {
		return err
	}

	var reconstructed []byte
	switch ch.Algo {
	case manifest.XDelta3:
		var ok bool
		reconstructed, ok = decodeFunc(patchData, orig)
		if !ok {
			return &DeflationError{Path: ch.Path}
		}
	case manifest.AsIs:
		reconstructed = patchData
	default:
		return xerrors.Errorf("unknown algorithm %q for %s", ch.Algo, ch.Path)
	}

	opts.logf("Modified %s: %d -> %d", ch.Path, len(patchData), len(reconstructed))

	stats.ReducedSize += uint64(len(patchData))
	stats.TotalSize += uint64(len(reconstructed))

	if err := renameio.WriteFile(deltaPath, reconstructed, rec.Mode.Perm()); err != nil {
		return xerrors.Errorf("writing %s: %w", deltaPath, err)
	}
	return fsmeta.Write(deltaPath, rec)
}

func reconstructKeep(sourceDir, deltaTargetDir, rel string, parents *fsmeta.ParentTracker, stats *Stats, opts Options) error {
	sourcePath := filepath.Join(sourceDir, rel)
	deltaPath := filepath.Join(deltaTargetDir, rel)

	orig, err := os.ReadFile(sourcePath)
	if err != nil {
		return xerrors.Errorf("reading %s: %w", sourcePath, err)
	}

	if err := parents.Observe(filepath.Dir(deltaPath)); err != nil {
		return err
	}

	rec, err := fsmeta.Read(deltaPath)
	if err != nil {
		return err
	}

	opts.logf("Keeping %s: %d", rel, len(orig))
	stats.TotalSize += uint64(len(orig))

	if err := renameio.WriteFile(deltaPath, orig, rec.Mode.Perm()); err != nil {
		return xerrors.Errorf("writing %s: %w", deltaPath, err)
	}
	return fsmeta.Write(deltaPath, rec)
}

// restoreHardlinks re-establishes, for every hardlink group observed in the
// delta tree, the links among all member paths, using any member that was
// actually recreated (i.e. named in the manifest) as the source of the
// link. Groups with no recreated member are left untouched: none of their
// files were rewritten, so their links are already intact.
func restoreHardlinks(deltaTargetDir string, groups map[fsid][]string, recreated map[string]bool, parents *fsmeta.ParentTracker) error {
	for _, members := range groups {
		sorted := append([]string(nil), members...)
		sort.Strings(sorted)

		var rep string
		for _, p := range sorted {
			if recreated[p] {
				rep = p
				break
			}
		}
		if rep == "" {
			continue
		}

		repPath := filepath.Join(deltaTargetDir, rep)
		for _, other := range sorted {
			if other == rep {
				continue
			}
			otherPath := filepath.Join(deltaTargetDir, other)

			if err := parents.Observe(filepath.Dir(otherPath)); err != nil {
				return err
			}
			if err := os.Remove(otherPath); err != nil {
				return xerrors.Errorf("removing %s to relink: %w", otherPath, err)
			}
			if err := os.Link(repPath, otherPath); err != nil {
				return xerrors.Errorf("linking %s -> %s: %w", otherPath, repPath, err)
			}
		}
	}

	return nil
}

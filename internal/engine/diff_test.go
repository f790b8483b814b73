package engine

import (
	"os"
	"path/filepath"
	"sort"
	"testing"

	"github.com/da-x/deltaimage/internal/manifest"
)

func TestDiffModifiedFileUsesXDelta(t *testing.T) {
	source := t.TempDir()
	target := t.TempDir()
	writeTree(t, source, map[string]string{"a": "hello"})
	writeTree(t, target, map[string]string{"a": "hello world"})

	if _, err := Diff(source, target, Options{}); err != nil {
		t.Fatalf("Diff: %v", err)
	}

	m, err := manifest.Read(filepath.Join(target, manifest.FileName))
	if err != nil {
		t.Fatalf("manifest.Read: %v", err)
	}

	if len(m.KeepFiles) != 0 {
		t.Errorf("KeepFiles = %v, want empty", m.KeepFiles)
	}
	if len(m.Changes) != 1 || m.Changes[0].Algo != manifest.XDelta3 || m.Changes[0].Path != "a" {
		t.Fatalf("Changes = %v, want [(XDelta3, a)]", m.Changes)
	}
}

func TestDiffUnmodifiedFileIsKept(t *testing.T) {
	source := t.TempDir()
	target := t.TempDir()
	writeTree(t, source, map[string]string{"a": "x"})
	writeTree(t, target, map[string]string{"a": "x"})

	if _, err := Diff(source, target, Options{}); err != nil {
		t.Fatalf("Diff: %v", err)
	}

	m, err := manifest.Read(filepath.Join(target, manifest.FileName))
	if err != nil {
		t.Fatalf("manifest.Read: %v", err)
	}

	if len(m.Changes) != 0 {
		t.Errorf("Changes = %v, want empty", m.Changes)
	}
	if len(m.KeepFiles) != 1 || m.KeepFiles[0] != "a" {
		t.Fatalf("KeepFiles = %v, want [a]", m.KeepFiles)
	}

	if size := fileSize(t, filepath.Join(target, "a")); size != 0 {
		t.Errorf("kept file size = %d, want 0", size)
	}
}

func TestDiffTargetOnlyFileIsUntouched(t *testing.T) {
	source := t.TempDir()
	target := t.TempDir()
	writeTree(t, target, map[string]string{"b": "new"})

	if _, err := Diff(source, target, Options{}); err != nil {
		t.Fatalf("Diff: %v", err)
	}

	m, err := manifest.Read(filepath.Join(target, manifest.FileName))
	if err != nil {
		t.Fatalf("manifest.Read: %v", err)
	}

	if len(m.Changes) != 0 || len(m.KeepFiles) != 0 {
		t.Fatalf("expected b to appear in neither list, got %+v", m)
	}

	if got := readFile(t, filepath.Join(target, "b")); got != "new" {
		t.Errorf("target-only file content = %q, want %q", got, "new")
	}
}

func TestDiffEncodeFailureFallsBackToAsIs(t *testing.T) {
	source := t.TempDir()
	target := t.TempDir()
	writeTree(t, source, map[string]string{"a": "old content"})
	writeTree(t, target, map[string]string{"a": "new content, perturbed"})

	restore := encodeFunc
	encodeFunc = func(new, old []byte) ([]byte, bool) { return nil, false }
	defer func() { encodeFunc = restore }()

	if _, err := Diff(source, target, Options{}); err != nil {
		t.Fatalf("Diff: %v", err)
	}

	m, err := manifest.Read(filepath.Join(target, manifest.FileName))
	if err != nil {
		t.Fatalf("manifest.Read: %v", err)
	}

	if len(m.Changes) != 1 || m.Changes[0].Algo != manifest.AsIs || m.Changes[0].Path != "a" {
		t.Fatalf("Changes = %v, want [(AsIs, a)]", m.Changes)
	}

	if got := readFile(t, filepath.Join(target, "a")); got != "new content, perturbed" {
		t.Errorf("AsIs content = %q, want verbatim new content", got)
	}
}

func TestDiffRoundTripDecodeFailureFallsBackToAsIs(t *testing.T) {
	source := t.TempDir()
	target := t.TempDir()
	writeTree(t, source, map[string]string{"a": "old"})
	writeTree(t, target, map[string]string{"a": "new"})

	restoreEncode, restoreDecode := encodeFunc, decodeFunc
	encodeFunc = func(new, old []byte) ([]byte, bool) { return []byte("patch"), true }
	decodeFunc = func(patch, old []byte) ([]byte, bool) { return nil, false }
	defer func() { encodeFunc, decodeFunc = restoreEncode, restoreDecode }()

	if _, err := Diff(source, target, Options{}); err != nil {
		t.Fatalf("Diff: %v", err)
	}

	m, err := manifest.Read(filepath.Join(target, manifest.FileName))
	if err != nil {
		t.Fatalf("manifest.Read: %v", err)
	}
	if len(m.Changes) != 1 || m.Changes[0].Algo != manifest.AsIs {
		t.Fatalf("Changes = %v, want AsIs fallback", m.Changes)
	}
}

func TestDiffRoundTripMismatchIsFatal(t *testing.T) {
	source := t.TempDir()
	target := t.TempDir()
	writeTree(t, source, map[string]string{"a": "old"})
	writeTree(t, target, map[string]string{"a": "new"})

	restoreEncode, restoreDecode := encodeFunc, decodeFunc
	encodeFunc = func(new, old []byte) ([]byte, bool) { return []byte("patch"), true }
	decodeFunc = func(patch, old []byte) ([]byte, bool) { return []byte("not new"), true }
	defer func() { encodeFunc, decodeFunc = restoreEncode, restoreDecode }()

	_, err := Diff(source, target, Options{})
	if err == nil {
		t.Fatalf("expected a validation error, got nil")
	}
	var verr *ValidationError
	if !asValidationError(err, &verr) {
		t.Fatalf("expected *ValidationError, got %T: %v", err, err)
	}
}

func TestDiffHardlinkShortCircuit(t *testing.T) {
	source := t.TempDir()
	target := t.TempDir()
	writeTree(t, source, map[string]string{"x": "C0", "y": "C0"})
	writeTree(t, target, map[string]string{"x": "C"})
	if err := os.Link(filepath.Join(target, "x"), filepath.Join(target, "y")); err != nil {
		t.Fatalf("Link: %v", err)
	}

	if _, err := Diff(source, target, Options{}); err != nil {
		t.Fatalf("Diff: %v", err)
	}

	m, err := manifest.Read(filepath.Join(target, manifest.FileName))
	if err != nil {
		t.Fatalf("manifest.Read: %v", err)
	}

	if len(m.Changes) != 1 || m.Changes[0].Path != "x" {
		t.Fatalf("Changes = %v, want exactly one entry for x", m.Changes)
	}

	xi, err := os.Stat(filepath.Join(target, "x"))
	if err != nil {
		t.Fatalf("Stat x: %v", err)
	}
	yi, err := os.Stat(filepath.Join(target, "y"))
	if err != nil {
		t.Fatalf("Stat y: %v", err)
	}
	if !os.SameFile(xi, yi) {
		t.Fatalf("x and y are no longer hardlinked after diff")
	}
}

// TestDiffHardlinkGroupWithTargetOnlyMember confirms that a hardlink group
// whose lexicographically-smallest member is a target-only path never lets
// that untouched path become the group's representative: the smallest
// matched member is classified and the other matched member is linked to
// it, instead of both being silently skipped and left holding the
// target-only file's content.
func TestDiffHardlinkGroupWithTargetOnlyMember(t *testing.T) {
	source := t.TempDir()
	target := t.TempDir()
	writeTree(t, source, map[string]string{"m": "X", "n": "X"})
	writeTree(t, target, map[string]string{"a": "X"})
	if err := os.Link(filepath.Join(target, "a"), filepath.Join(target, "m")); err != nil {
		t.Fatalf("Link a->m: %v", err)
	}
	if err := os.Link(filepath.Join(target, "a"), filepath.Join(target, "n")); err != nil {
		t.Fatalf("Link a->n: %v", err)
	}

	if _, err := Diff(source, target, Options{}); err != nil {
		t.Fatalf("Diff: %v", err)
	}

	m, err := manifest.Read(filepath.Join(target, manifest.FileName))
	if err != nil {
		t.Fatalf("manifest.Read: %v", err)
	}

	got := append([]string(nil), m.KeepFiles...)
	sort.Strings(got)
	if len(got) != 1 || got[0] != "m" {
		t.Fatalf("KeepFiles = %v, want [m]: m is the representative, n is only linked to it", got)
	}
	if len(m.Changes) != 0 {
		t.Fatalf("Changes = %v, want empty", m.Changes)
	}

	if size := fileSize(t, filepath.Join(target, "m")); size != 0 {
		t.Errorf("m size = %d, want 0 (kept)", size)
	}
	if size := fileSize(t, filepath.Join(target, "n")); size != 0 {
		t.Errorf("n size = %d, want 0 (kept)", size)
	}

	mi, err := os.Stat(filepath.Join(target, "m"))
	if err != nil {
		t.Fatalf("Stat m: %v", err)
	}
	ni, err := os.Stat(filepath.Join(target, "n"))
	if err != nil {
		t.Fatalf("Stat n: %v", err)
	}
	if !os.SameFile(mi, ni) {
		t.Fatalf("m and n are not hardlinked to each other after diff")
	}

	ai, err := os.Stat(filepath.Join(target, "a"))
	if err != nil {
		t.Fatalf("Stat a: %v", err)
	}
	if os.SameFile(ai, mi) {
		t.Fatalf("target-only a must not end up linked with the reclassified siblings")
	}
	if got := readFile(t, filepath.Join(target, "a")); got != "X" {
		t.Errorf("target-only a content = %q, want untouched %q", got, "X")
	}
}

func TestDiffNonUTF8Path(t *testing.T) {
	source := t.TempDir()
	target := t.TempDir()
	weird := string([]byte{0xff, 0xfe})
	writeTree(t, target, map[string]string{weird: "payload"})

	if _, err := Diff(source, target, Options{}); err != nil {
		t.Fatalf("Diff: %v", err)
	}

	if got := readFile(t, filepath.Join(target, weird)); got != "payload" {
		t.Errorf("non-UTF8 path content = %q, want %q", got, "payload")
	}
}

func TestDiffRefusesAlreadyDiffedTarget(t *testing.T) {
	source := t.TempDir()
	target := t.TempDir()
	writeTree(t, source, map[string]string{"a": "old"})
	writeTree(t, target, map[string]string{"a": "new"})

	if _, err := Diff(source, target, Options{}); err != nil {
		t.Fatalf("first Diff: %v", err)
	}

	_, err := Diff(source, target, Options{})
	if err == nil {
		t.Fatalf("expected a DeltaDirExistsError on re-diff, got nil")
	}
	if _, ok := err.(*DeltaDirExistsError); !ok {
		t.Fatalf("expected *DeltaDirExistsError, got %T: %v", err, err)
	}
}

// asValidationError is a small helper so the test doesn't need to depend on
// errors.As semantics around xerrors wrapping.
func asValidationError(err error, out **ValidationError) bool {
	for err != nil {
		if verr, ok := err.(*ValidationError); ok {
			*out = verr
			return true
		}
		type unwrapper interface{ Unwrap() error }
		u, ok := err.(unwrapper)
		if !ok {
			return false
		}
		err = u.Unwrap()
	}
	return false
}

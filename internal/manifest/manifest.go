// Package manifest serializes and deserializes the sidecar manifest that
// binds a delta tree's rewritten paths to the transformation applied to
// each: kept-as-zero-byte, or changed via a named algorithm. Paths are
// POSIX byte strings and are not assumed to be valid UTF-8, so they are
// encoded as JSON arrays of integers rather than JSON strings.
package manifest

import (
	"encoding/json"
	"os"

	"github.com/google/renameio"
	"golang.org/x/xerrors"
)

// FileName is the manifest's fixed location at the delta tree root.
const FileName = "__deltaimage.meta.json"

// Algo names the transformation applied to one changed file.
type Algo string

const (
	// XDelta3 marks a file stored as a binary patch against the source.
	XDelta3 Algo = "XDelta3"
	// AsIs marks a file stored verbatim because patching was unprofitable
	// or unsafe.
	AsIs Algo = "AsIs"
)

// Change names one changed path and the algorithm used to store it.
type Change struct {
	Algo Algo
	Path string
}

// Manifest is the full sidecar: the producer's version string, the set of
// paths whose content is unchanged (stored as zero-byte markers), and the
// set of changed paths with their storage algorithm. Paths present in the
// target tree but not the source appear in neither list.
type Manifest struct {
	Version   string
	KeepFiles []string
	Changes   []Change
}

// wireManifest is the on-disk shape: byte strings as integer arrays, under
// the field names version, keep_files and changes.
type wireManifest struct {
	Version   string       `json:"version"`
	KeepFiles []bytePath   `json:"keep_files"`
	Changes   []wireChange `json:"changes"`
}

// bytePath is a relative path rendered on the wire as a JSON array of
// integers, one per byte, rather than a JSON string. encoding/json's
// default handling of a bare []byte is a base64 string, which would not
// survive arbitrary POSIX filename bytes losslessly; bytePath's own
// MarshalJSON/UnmarshalJSON bypass that default.
type bytePath []byte

func (p bytePath) MarshalJSON() ([]byte, error) {
	ints := make([]int, len(p))
	for i, b := range p {
		ints[i] = int(b)
	}
	return json.Marshal(ints)
}

func (p *bytePath) UnmarshalJSON(data []byte) error {
	var ints []int
	if err := json.Unmarshal(data, &ints); err != nil {
		return err
	}
	buf := make([]byte, len(ints))
	for i, v := range ints {
		buf[i] = byte(v)
	}
	*p = buf
	return nil
}

type wireChange struct {
	Algo Algo
	Path bytePath
}

// MarshalJSON encodes a (Algo, Path) pair as the 2-element array
// `[algo, path]` this package's wire format uses, with path as an integer
// array (see bytePath).
func (c wireChange) MarshalJSON() ([]byte, error) {
	return json.Marshal([2]interface{}{c.Algo, c.Path})
}

// UnmarshalJSON decodes the `[algo, path]` array form.
func (c *wireChange) UnmarshalJSON(data []byte) error {
	var pair [2]json.RawMessage
	if err := json.Unmarshal(data, &pair); err != nil {
		return err
	}
	if err := json.Unmarshal(pair[0], &c.Algo); err != nil {
		return err
	}
	return json.Unmarshal(pair[1], &c.Path)
}

func toWire(m Manifest) wireManifest {
	w := wireManifest{Version: m.Version}
	for _, p := range m.KeepFiles {
		w.KeepFiles = append(w.KeepFiles, bytePath(p))
	}
	for _, c := range m.Changes {
		w.Changes = append(w.Changes, wireChange{Algo: c.Algo, Path: bytePath(c.Path)})
	}
	return w
}

func fromWire(w wireManifest) Manifest {
	m := Manifest{Version: w.Version}
	for _, p := range w.KeepFiles {
		m.KeepFiles = append(m.KeepFiles, string(p))
	}
	for _, c := range w.Changes {
		m.Changes = append(m.Changes, Change{Algo: c.Algo, Path: string(c.Path)})
	}
	return m
}

// Write serializes m to path, creating it atomically (write-to-temp then
// rename) so a crash mid-write never leaves a partially-written manifest
// where a reader could observe it.
func Write(path string, m Manifest) error {
	data, err := json.Marshal(toWire(m))
	if err != nil {
		return xerrors.Errorf("marshal manifest: %w", err)
	}

	if err := renameio.WriteFile(path, data, 0o644); err != nil {
		return xerrors.Errorf("write manifest %s: %w", path, err)
	}

	return nil
}

// Read deserializes the manifest at path. A manifest that parses but is
// internally inconsistent (e.g. a path present in both KeepFiles and
// Changes) is returned without error — callers that care must check for
// that themselves.
func Read(path string) (Manifest, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Manifest{}, xerrors.Errorf("read manifest %s: %w", path, err)
	}

	var w wireManifest
	if err := json.Unmarshal(data, &w); err != nil {
		return Manifest{}, xerrors.Errorf("parse manifest %s: %w", path, err)
	}

	return fromWire(w), nil
}

// Remove deletes the manifest file, as the final step of apply.
func Remove(path string) error {
	if err := os.Remove(path); err != nil {
		return xerrors.Errorf("remove manifest %s: %w", path, err)
	}
	return nil
}

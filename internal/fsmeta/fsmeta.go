// Package fsmeta reads and writes the POSIX metadata that the delta engine
// must preserve across a diff/apply round trip: modification time, mode,
// ownership, extended attributes, and (read-only) inode/device identity.
package fsmeta

import (
	"os"
	"sort"
	"syscall"
	"time"

	"golang.org/x/sys/unix"
	"golang.org/x/xerrors"
)

// Xattr is a single extended attribute name/value pair.
type Xattr struct {
	Name  string
	Value []byte
}

// Record is the metadata snapshot of one regular file: the semantic
// attributes that must round-trip (ModTime, Mode, UID, GID, Xattrs) plus the
// filesystem identity (Ino, Dev) that is observed but never persisted.
type Record struct {
	ModTime time.Time
	Mode    os.FileMode
	UID     uint32
	GID     uint32
	Xattrs  []Xattr
	Ino     uint64
	Dev     uint64
}

// Read snapshots the metadata of path. Failure to enumerate the xattr set is
// treated as "no xattrs"; failure to read an individually listed attribute
// is fatal.
func Read(path string) (Record, error) {
	fi, err := os.Stat(path)
	if err != nil {
		return Record{}, xerrors.Errorf("stat %s: %w", path, err)
	}

	st, ok := fi.Sys().(*syscall.Stat_t)
	if !ok {
		return Record{}, xerrors.Errorf("stat %s: unsupported platform", path)
	}

	rec := Record{
		ModTime: fi.ModTime(),
		Mode:    fi.Mode(),
		UID:     st.Uid,
		GID:     st.Gid,
		Ino:     st.Ino,
		Dev:     uint64(st.Dev),
	}

	names, err := listXattrs(path)
	if err != nil {
		// Non-fatal: an fs without xattr support, or one that refuses to
		// list them, simply contributes an empty set.
		return rec, nil
	}

	for _, name := range names {
		sz, err := unix.Getxattr(path, name, nil)
		if err != nil {
			return Record{}, xerrors.Errorf("getxattr %s %s: %w", path, name, err)
		}
		buf := make([]byte, sz)
		if sz > 0 {
			if _, err := unix.Getxattr(path, name, buf); err != nil {
				return Record{}, xerrors.Errorf("getxattr %s %s: %w", path, name, err)
			}
		}
		rec.Xattrs = append(rec.Xattrs, Xattr{Name: name, Value: buf})
	}

	sort.Slice(rec.Xattrs, func(i, j int) bool { return rec.Xattrs[i].Name < rec.Xattrs[j].Name })

	return rec, nil
}

// listXattrs returns the attribute names set on path, or an error if the
// list itself could not be obtained (caller treats that as "no xattrs").
func listXattrs(path string) ([]string, error) {
	sz, err := unix.Listxattr(path, nil)
	if err != nil {
		return nil, err
	}
	if sz == 0 {
		return nil, nil
	}
	buf := make([]byte, sz)
	sz, err = unix.Listxattr(path, buf)
	if err != nil {
		return nil, err
	}
	return splitNames(buf[:sz]), nil
}

// splitNames splits a NUL-separated attribute name list, as returned by
// listxattr(2), into individual strings.
func splitNames(buf []byte) []string {
	var names []string
	off := 0
	for i, b := range buf {
		if b == 0 {
			if i > off {
				names = append(names, string(buf[off:i]))
			}
			off = i + 1
		}
	}
	return names
}

// Write applies rec to path in a fixed order: chown first (which may clear
// setuid/setgid bits on some kernels), then mtime/atime, then xattrs, then
// mode last so it survives both of the earlier steps.
func Write(path string, rec Record) error {
	if err := os.Chown(path, int(rec.UID), int(rec.GID)); err != nil {
		return xerrors.Errorf("chown %s: %w", path, err)
	}

	if err := os.Chtimes(path, rec.ModTime, rec.ModTime); err != nil {
		return xerrors.Errorf("chtimes %s: %w", path, err)
	}

	for _, x := range rec.Xattrs {
		if err := unix.Setxattr(path, x.Name, x.Value, 0); err != nil {
			return xerrors.Errorf("setxattr %s %s: %w", path, x.Name, err)
		}
	}

	if err := os.Chmod(path, rec.Mode); err != nil {
		return xerrors.Errorf("chmod %s: %w", path, err)
	}

	return nil
}

// ParentTracker records, once per parent directory, the mtime observed the
// first time one of its children is about to be edited, and restores every
// recorded mtime on Restore. This implements the parent-mtime preservation
// protocol shared by the diff and apply passes.
type ParentTracker struct {
	saved map[string]time.Time
}

// NewParentTracker returns an empty tracker.
func NewParentTracker() *ParentTracker {
	return &ParentTracker{saved: make(map[string]time.Time)}
}

// Observe records parent's current mtime the first time it is called for
// that parent; subsequent calls are no-ops.
func (t *ParentTracker) Observe(parent string) error {
	if _, ok := t.saved[parent]; ok {
		return nil
	}
	fi, err := os.Stat(parent)
	if err != nil {
		return xerrors.Errorf("stat %s: %w", parent, err)
	}
	t.saved[parent] = fi.ModTime()
	return nil
}

// Restore reapplies every recorded parent mtime (and atime).
func (t *ParentTracker) Restore() error {
	for parent, mtime := range t.saved {
		if err := os.Chtimes(parent, mtime, mtime); err != nil {
			return xerrors.Errorf("chtimes %s: %w", parent, err)
		}
	}
	return nil
}

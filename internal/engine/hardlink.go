package engine

import (
	"os"
	"path/filepath"
	"sort"
	"syscall"

	"golang.org/x/xerrors"
)

// fsid identifies a file by filesystem identity: (device, inode).
type fsid struct {
	dev, ino uint64
}

// statFsid returns the (dev,ino) pair and link count for path.
func statFsid(path string) (fsid, uint64, error) {
	fi, err := os.Stat(path)
	if err != nil {
		return fsid{}, 0, xerrors.Errorf("stat %s: %w", path, err)
	}
	st, ok := fi.Sys().(*syscall.Stat_t)
	if !ok {
		return fsid{}, 0, xerrors.Errorf("stat %s: unsupported platform", path)
	}
	return fsid{dev: uint64(st.Dev), ino: st.Ino}, uint64(st.Nlink), nil
}

// scanHardlinkGroups walks root and returns the hardlink groups of regular
// files with a link count of 2 or more: a map keyed by (dev,ino) whose values
// are the relative paths of the group's members. A group can have a single
// member when its other links lie outside root; callers handle such groups
// uniformly.
func scanHardlinkGroups(root string) (map[fsid][]string, error) {
	groups := make(map[fsid][]string)

	err := filepath.Walk(root, func(path string, info os.FileInfo, err error) error {
		if err != nil {
			return err
		}
		if path == root || !info.Mode().IsRegular() {
			return nil
		}

		id, nlink, err := statFsid(path)
		if err != nil {
			return err
		}
		if nlink < 2 {
			return nil
		}

		rel, err := filepath.Rel(root, path)
		if err != nil {
			return xerrors.Errorf("rel %s: %w", path, err)
		}

		groups[id] = append(groups[id], rel)
		return nil
	})
	if err != nil {
		return nil, err
	}

	return groups, nil
}

// representatives picks, for each hardlink group, the lexicographically
// smallest member path among those present in matched as the canonical
// representative, and returns a mapping from every other matched member's
// relative path to its representative's relative path. Picking
// deterministically up front, rather than first-seen-wins during the walk,
// keeps the representative choice independent of directory traversal order.
//
// A group member absent from matched is a target-only path: it is left
// untouched and can never become a representative or be relinked, exactly
// as if it were not part of the group at all. Only members present in both
// trees ever reach the hardlink short-circuit, so only they compete for
// representative status.
func representatives(groups map[fsid][]string, matched map[string]bool) map[string]string {
	repOf := make(map[string]string)

	for _, members := range groups {
		var present []string
		for _, m := range members {
			if matched[m] {
				present = append(present, m)
			}
		}
		if len(present) < 2 {
			continue
		}
		sort.Strings(present)
		rep := present[0]
		for _, m := range present[1:] {
			repOf[m] = rep
		}
	}

	return repOf
}

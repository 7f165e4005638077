// Package walk implements the asynchronous recursive directory
// traversal used for a module's initial full sync (spec.md §4.7). It
// skips any directory named ".mirra" and tracks visited (device, inode)
// pairs so a symlink cycle cannot cause unbounded traversal (spec.md
// §9).
package walk

import (
	"os"
	"path/filepath"
	"sort"

	"github.com/pkg/errors"

	"github.com/nicolagi/mirra/internal/pathsafe"
)

// OnFile is called once per regular file found, with its absolute
// path. Returning an error aborts the walk.
type OnFile func(absolute string) error

// Walk performs a depth-first traversal of root, calling onFile for
// every regular file. Sibling ordering is lexicographic by basename so
// that two walks of the same tree produce the same sequence (spec.md
// §4.7's determinism requirement, which test fixtures rely on).
//
// Symlinks are followed only if they resolve to somewhere inside root;
// a (device, inode) set is maintained across the whole walk so a cycle
// — direct or indirect — is visited at most once.
func Walk(root string, onFile OnFile) error {
	visited := map[inodeKey]bool{}
	if fi, err := os.Stat(root); err == nil {
		markVisited(visited, fi)
	}
	return walk(root, root, visited, onFile)
}

func walk(root, dir string, visited map[inodeKey]bool, onFile OnFile) error {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return errors.Wrapf(err, "walk: read dir %q", dir)
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].Name() < entries[j].Name() })

	for _, entry := range entries {
		name := entry.Name()
		if name == pathsafe.ControlDirName {
			continue
		}
		abs := filepath.Join(dir, name)

		info := entry
		typ := info.Type()
		if typ&os.ModeSymlink != 0 {
			resolved, err := filepath.EvalSymlinks(abs)
			if err != nil {
				continue // broken symlink: skip, not fatal to the walk.
			}
			if !withinRoot(root, resolved) {
				continue // refuse symlinks escaping the module root.
			}
			fi, err := os.Stat(resolved)
			if err != nil {
				continue
			}
			if fi.IsDir() {
				abs = resolved
			} else if fi.Mode().IsRegular() {
				if !markVisited(visited, fi) {
					continue
				}
				if err := onFile(abs); err != nil {
					return err
				}
				continue
			} else {
				continue
			}
		}

		fi, err := os.Lstat(abs)
		if err != nil {
			return errors.Wrapf(err, "walk: stat %q", abs)
		}
		switch {
		case fi.IsDir():
			if !markVisited(visited, fi) {
				continue
			}
			if err := walk(root, abs, visited, onFile); err != nil {
				return err
			}
		case fi.Mode().IsRegular():
			if err := onFile(abs); err != nil {
				return err
			}
		default:
			// Sockets, devices, named pipes, etc.: not part of a
			// mirrored tree.
		}
	}
	return nil
}

func withinRoot(root, path string) bool {
	rel, err := filepath.Rel(root, path)
	if err != nil {
		return false
	}
	rel = filepath.ToSlash(rel)
	return rel != ".." && !hasDotDotPrefix(rel)
}

func hasDotDotPrefix(rel string) bool {
	return len(rel) >= 3 && rel[:3] == "../"
}

// markVisited returns false if fi's (device, inode) pair has already
// been visited in this walk (a cycle), recording it otherwise. It is a
// no-op returning true on platforms/filesystems where the inode cannot
// be determined.
func markVisited(visited map[inodeKey]bool, fi os.FileInfo) bool {
	key, ok := inodeKeyOf(fi)
	if !ok {
		return true
	}
	if visited[key] {
		return false
	}
	visited[key] = true
	return true
}

// Package pathsafe normalizes and validates the relative paths carried
// in FileHeader, Remove and Rename messages (spec.md §3, §4.6, §9). A
// relative path is forward-slash delimited, relative to the module
// root, never begins with "/", and never contains ".." segments.
package pathsafe

import (
	"path/filepath"
	"strings"

	"github.com/pkg/errors"
)

// ErrEscapesRoot is returned by Validate when a relative path would
// resolve outside the module root it is relative to.
var ErrEscapesRoot = errors.New("pathsafe: path escapes module root")

// ToSlash normalizes an absolute path under root into the forward-slash
// relative_path carried on the wire (spec.md §4.5: "a reimplementation
// should ensure this explicitly"). It strips the root prefix and
// converts OS path separators to "/".
func ToSlash(root, absolute string) (string, error) {
	rel, err := filepath.Rel(root, absolute)
	if err != nil {
		return "", errors.Wrapf(err, "pathsafe: %q relative to %q", absolute, root)
	}
	return filepath.ToSlash(rel), nil
}

// Validate rejects a relative_path that is absolute, empty, or whose
// normalization escapes the module root via ".." segments. This check
// is mandatory on the node side (spec.md §4.6, §9): the original source
// does not enforce it.
func Validate(relative string) error {
	if relative == "" {
		return errors.Wrap(ErrEscapesRoot, "pathsafe: empty path")
	}
	if strings.HasPrefix(relative, "/") || (len(relative) >= 2 && relative[1] == ':') {
		return errors.Wrapf(ErrEscapesRoot, "pathsafe: %q is absolute", relative)
	}
	clean := filepath.ToSlash(filepath.Clean(relative))
	if clean == ".." || strings.HasPrefix(clean, "../") {
		return errors.Wrapf(ErrEscapesRoot, "pathsafe: %q escapes root", relative)
	}
	return nil
}

// Resolve validates relative and joins it onto root, returning the
// absolute on-disk path.
func Resolve(root, relative string) (string, error) {
	if err := Validate(relative); err != nil {
		return "", err
	}
	return filepath.Join(root, filepath.FromSlash(relative)), nil
}

// ControlDirName is the directory basename that is never walked,
// watched, or transmitted (spec.md §6.3).
const ControlDirName = ".mirra"

// ContainsControlDir reports whether any path segment of relative
// equals the control directory name.
func ContainsControlDir(relative string) bool {
	for _, seg := range strings.Split(filepath.ToSlash(relative), "/") {
		if seg == ControlDirName {
			return true
		}
	}
	return false
}

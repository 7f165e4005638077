package walk

import (
	"os"
	"syscall"
)

type inodeKey struct {
	dev uint64
	ino uint64
}

func inodeKeyOf(fi os.FileInfo) (inodeKey, bool) {
	st, ok := fi.Sys().(*syscall.Stat_t)
	if !ok {
		return inodeKey{}, false
	}
	return inodeKey{dev: uint64(st.Dev), ino: st.Ino}, true
}

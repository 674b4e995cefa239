//go:build linux

package fsbrowse

import (
	"io/fs"
	"syscall"
	"time"
)

// creationTime falls back to the inode change time; Linux stat does not
// expose birth time.
func creationTime(info fs.FileInfo) time.Time {
	if st, ok := info.Sys().(*syscall.Stat_t); ok {
		return time.Unix(st.Ctim.Unix())
	}
	return info.ModTime()
}

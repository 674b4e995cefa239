// Package fsbrowse enumerates directories and drives on the node for
// control-plane file browsing.
package fsbrowse

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	nodev1 "github.com/fleetd/fleetd/api/node/v1"
	"github.com/shirou/gopsutil/v4/disk"
)

// Error codes returned to the control plane.
const (
	CodeNotFound         = "not_found"
	CodePermissionDenied = "permission_denied"
	CodeNotADirectory    = "not_a_directory"
	CodeIOError          = "io_error"
	CodeInvalidArgument  = "invalid_argument"
)

// Error is a listing failure carrying a control-plane error code.
type Error struct {
	Code    string
	Message string
	Err     error
}

func (e *Error) Error() string { return e.Message }

func (e *Error) Unwrap() error { return e.Err }

// Reply converts err into the wire error shape. Errors that are not *Error
// map to io_error.
func Reply(err error) *nodev1.ErrorReply {
	var fe *Error
	if errors.As(err, &fe) {
		return &nodev1.ErrorReply{ErrorCode: fe.Code, Message: fe.Message}
	}
	return &nodev1.ErrorReply{ErrorCode: CodeIOError, Message: err.Error()}
}

// ListDirectory returns the entries of the absolute directory path dir.
func ListDirectory(dir string) ([]*nodev1.FileSystemObject, error) {
	if strings.TrimSpace(dir) == "" {
		return nil, &Error{Code: CodeInvalidArgument, Message: "directory is required"}
	}
	if !filepath.IsAbs(dir) {
		return nil, &Error{Code: CodeInvalidArgument, Message: fmt.Sprintf("directory %q is not absolute", dir)}
	}
	dir = filepath.Clean(dir)

	info, err := os.Stat(dir)
	if err != nil {
		return nil, classify(dir, err)
	}
	if !info.IsDir() {
		return nil, &Error{Code: CodeNotADirectory, Message: fmt.Sprintf("%s is not a directory", dir)}
	}

	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, classify(dir, err)
	}

	objects := make([]*nodev1.FileSystemObject, 0, len(entries))
	for _, entry := range entries {
		info, err := entry.Info()
		if err != nil {
			// Removed between ReadDir and Lstat.
			if errors.Is(err, fs.ErrNotExist) {
				continue
			}
			return nil, classify(filepath.Join(dir, entry.Name()), err)
		}
		objects = append(objects, toObject(dir, info))
	}
	return objects, nil
}

func toObject(dir string, info fs.FileInfo) *nodev1.FileSystemObject {
	obj := &nodev1.FileSystemObject{
		Name:          info.Name(),
		FullName:      filepath.Join(dir, info.Name()),
		CreationTime:  creationTime(info).UTC(),
		LastWriteTime: info.ModTime().UTC(),
	}

	mode := info.Mode()
	switch {
	case mode.IsRegular():
		obj.Type = nodev1.ObjectFile
		obj.Length = info.Size()
	case mode.IsDir():
		obj.Type = nodev1.ObjectDirectory
	case mode&fs.ModeSymlink != 0:
		obj.Type = nodev1.ObjectSymlink
	default:
		obj.Type = nodev1.ObjectOther
	}
	return obj
}

func classify(path string, err error) *Error {
	switch {
	case errors.Is(err, fs.ErrNotExist):
		return &Error{Code: CodeNotFound, Message: fmt.Sprintf("%s does not exist", path), Err: err}
	case errors.Is(err, fs.ErrPermission):
		return &Error{Code: CodePermissionDenied, Message: fmt.Sprintf("access to %s is denied", path), Err: err}
	default:
		return &Error{Code: CodeIOError, Message: err.Error(), Err: err}
	}
}

var (
	partitions = disk.PartitionsWithContext
	usage      = disk.UsageWithContext
)

// ListDrives returns the node's mounted physical filesystems. A drive whose
// usage cannot be read is reported with IsReady false.
func ListDrives(ctx context.Context) ([]*nodev1.Drive, error) {
	parts, err := partitions(ctx, false)
	if err != nil {
		return nil, &Error{Code: CodeIOError, Message: fmt.Sprintf("failed to list partitions: %v", err), Err: err}
	}

	drives := make([]*nodev1.Drive, 0, len(parts))
	for _, p := range parts {
		d := &nodev1.Drive{
			Name:        p.Mountpoint,
			DriveFormat: p.Fstype,
			DriveType:   driveType(p.Fstype),
			VolumeLabel: p.Device,
		}
		if u, err := usage(ctx, p.Mountpoint); err == nil {
			d.TotalSize = u.Total
			d.AvailableFreeSpace = u.Free
			d.IsReady = true
		}
		drives = append(drives, d)
	}
	return drives, nil
}

func driveType(fstype string) string {
	switch strings.ToLower(fstype) {
	case "nfs", "nfs4", "cifs", "smbfs", "smb2", "sshfs", "fuse.sshfs", "9p", "afpfs":
		return "network"
	case "tmpfs", "ramfs":
		return "ram"
	case "iso9660", "udf":
		return "cdrom"
	case "vfat", "exfat", "msdos":
		return "removable"
	case "":
		return "unknown"
	default:
		return "fixed"
	}
}

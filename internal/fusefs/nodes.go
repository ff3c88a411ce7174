//go:build linux

// Package fusefs serves the namespace tree as a read-only FUSE filesystem.
package fusefs

import (
	"context"
	"sync"
	"syscall"

	"github.com/hanwen/go-fuse/v2/fs"
	"github.com/hanwen/go-fuse/v2/fuse"
	"github.com/mrzor/fifomon/internal/namespace"
)

type attrs struct {
	mu   sync.Mutex
	attr namespace.Attr
}

func (a *attrs) Attr() namespace.Attr {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.attr
}

func (a *attrs) SetAttr(attr namespace.Attr) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.attr = attr
}

func (a *attrs) fill(out *fuse.Attr, fallbackMode uint32) {
	attr := a.Attr()
	out.Mode = attr.Mode
	if out.Mode == 0 {
		out.Mode = fallbackMode
	}
	out.Size = attr.Size
	out.Uid = attr.UID
	out.Gid = attr.GID
}

// Dir is a directory of the tree. The mount root is a Dir as well.
type Dir struct {
	fs.Inode
	attrs
}

// NewRoot returns the node to mount.
func NewRoot() *Dir {
	d := &Dir{}
	d.SetAttr(namespace.Attr{Mode: syscall.S_IFDIR | 0o555})
	return d
}

func (d *Dir) Getattr(_ context.Context, _ fs.FileHandle, out *fuse.AttrOut) syscall.Errno {
	d.fill(&out.Attr, syscall.S_IFDIR|0o555)
	return 0
}

// File is an accessor file. Its content is produced on every read.
type File struct {
	fs.Inode
	attrs

	read namespace.ReadFunc
}

func (f *File) Getattr(_ context.Context, _ fs.FileHandle, out *fuse.AttrOut) syscall.Errno {
	f.fill(&out.Attr, syscall.S_IFREG|0o444)
	return 0
}

// Open refuses writers. Direct IO keeps the kernel from caching content
// or trusting the zero size.
func (f *File) Open(_ context.Context, flags uint32) (fs.FileHandle, uint32, syscall.Errno) {
	if flags&syscall.O_ACCMODE != syscall.O_RDONLY || flags&syscall.O_TRUNC != 0 {
		return nil, 0, syscall.EROFS
	}
	return nil, fuse.FOPEN_DIRECT_IO, 0
}

func (f *File) Read(ctx context.Context, _ fs.FileHandle, dest []byte, off int64) (fuse.ReadResult, syscall.Errno) {
	n, err := f.read(ctx, dest, off)
	if err != nil {
		return nil, syscall.EIO
	}
	return fuse.ReadResultData(dest[:n]), 0
}

var (
	_ fs.NodeGetattrer = (*Dir)(nil)
	_ fs.NodeGetattrer = (*File)(nil)
	_ fs.NodeOpener    = (*File)(nil)
	_ fs.NodeReader    = (*File)(nil)
	_ namespace.Entry  = (*Dir)(nil)
	_ namespace.Entry  = (*File)(nil)
)

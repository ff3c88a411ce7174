//go:build linux

package fusefs

import (
	"context"
	"fmt"
	"strings"
	"syscall"
	"time"

	"github.com/hanwen/go-fuse/v2/fs"
	"github.com/hanwen/go-fuse/v2/fuse"
	"github.com/mrzor/fifomon/internal/namespace"
	"go.uber.org/zap"
)

// Registrar creates namespace entries as persistent FUSE inodes below root.
// root must already be attached to a filesystem, see Mount.
type Registrar struct {
	root *Dir
	log  *zap.Logger
}

// NewRegistrar creates a Registrar whose top level is root.
func NewRegistrar(root *Dir, logger *zap.Logger) *Registrar {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Registrar{root: root, log: logger}
}

func (r *Registrar) Top() namespace.Entry { return r.root }

func (r *Registrar) CreateDirectory(parent namespace.Entry, name string) (namespace.Entry, error) {
	d := &Dir{}
	d.SetAttr(namespace.Attr{Mode: syscall.S_IFDIR | 0o555})
	if err := r.add(parent, name, d, fuse.S_IFDIR); err != nil {
		return nil, err
	}
	return d, nil
}

func (r *Registrar) CreateFile(parent namespace.Entry, name string, read namespace.ReadFunc) (namespace.Entry, error) {
	if read == nil {
		return nil, fmt.Errorf("%s: file entry needs a read callback: %w", name, syscall.EINVAL)
	}
	f := &File{read: read}
	f.SetAttr(namespace.Attr{Mode: syscall.S_IFREG | 0o444})
	if err := r.add(parent, name, f, fuse.S_IFREG); err != nil {
		return nil, err
	}
	return f, nil
}

func (r *Registrar) add(parent namespace.Entry, name string, node fs.InodeEmbedder, mode uint32) error {
	p, err := dirOf(parent)
	if err != nil {
		return err
	}
	if name == "" || name == "." || name == ".." || strings.Contains(name, "/") {
		return fmt.Errorf("invalid entry name %q: %w", name, syscall.EINVAL)
	}

	child := p.NewPersistentInode(context.Background(), node, fs.StableAttr{Mode: mode})
	if !p.AddChild(name, child, false) {
		return fmt.Errorf("%s: %w", name, syscall.EEXIST)
	}
	r.log.Debug("Registered entry", zap.String("name", name), zap.Bool("dir", mode == fuse.S_IFDIR))
	return nil
}

func (r *Registrar) Remove(parent namespace.Entry, name string) error {
	p, err := dirOf(parent)
	if err != nil {
		return err
	}
	child := p.GetChild(name)
	if child == nil {
		return fmt.Errorf("%s: %w", name, syscall.ENOENT)
	}
	if len(child.Children()) > 0 {
		return fmt.Errorf("%s: %w", name, syscall.ENOTEMPTY)
	}
	p.RmChild(name)
	return nil
}

func dirOf(e namespace.Entry) (*Dir, error) {
	d, ok := e.(*Dir)
	if !ok || d == nil {
		return nil, fmt.Errorf("entry %T is not a directory: %w", e, syscall.ENOTDIR)
	}
	return d, nil
}

// MountOptions tune the FUSE mount.
type MountOptions struct {
	AllowOther bool
	Debug      bool
	// Timeout is how long the kernel may cache entries and attributes.
	// Zero keeps every lookup live, like /proc.
	Timeout time.Duration
}

// Mount serves root on mountpoint. Entries can be registered once it returns.
func Mount(mountpoint string, root *Dir, opts MountOptions) (*fuse.Server, error) {
	ttl := opts.Timeout
	server, err := fs.Mount(mountpoint, root, &fs.Options{
		AttrTimeout:  &ttl,
		EntryTimeout: &ttl,
		MountOptions: fuse.MountOptions{
			AllowOther: opts.AllowOther,
			Debug:      opts.Debug,
			FsName:     "fifomon",
			Name:       "fifomon",
		},
	})
	if err != nil {
		return nil, fmt.Errorf("mounting %s: %w", mountpoint, err)
	}
	return server, nil
}

// Attach prepares root for registration without a kernel mount. The
// returned filesystem can be served later, or only used in-process.
func Attach(root *Dir) fuse.RawFileSystem {
	return fs.NewNodeFS(root, &fs.Options{})
}

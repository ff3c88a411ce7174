package namespace

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"syscall"
)

// MemEntry is an entry of a MemRegistrar.
type MemEntry struct {
	name   string
	parent *MemEntry
	dir    bool
	read   ReadFunc

	mu       sync.Mutex
	attr     Attr
	children []*MemEntry
}

func (e *MemEntry) Attr() Attr {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.attr
}

func (e *MemEntry) SetAttr(a Attr) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.attr = a
}

// Name returns the entry name.
func (e *MemEntry) Name() string { return e.name }

// IsDir reports whether the entry is a directory.
func (e *MemEntry) IsDir() bool { return e.dir }

// Children returns the child entries in creation order.
func (e *MemEntry) Children() []*MemEntry {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([]*MemEntry, len(e.children))
	copy(out, e.children)
	return out
}

// Child returns the child entry called name, or nil.
func (e *MemEntry) Child(name string) *MemEntry {
	e.mu.Lock()
	defer e.mu.Unlock()
	for _, c := range e.children {
		if c.name == name {
			return c
		}
	}
	return nil
}

// ReadAll reads a file entry the way a consumer would, one page at offset 0
// followed by a read at the returned offset until nothing is left.
func (e *MemEntry) ReadAll(ctx context.Context) ([]byte, error) {
	if e.dir || e.read == nil {
		return nil, fmt.Errorf("%s: %w", e.name, syscall.EISDIR)
	}

	var out []byte
	buf := make([]byte, 4096)
	for {
		n, err := e.read(ctx, buf, int64(len(out)))
		if err != nil {
			return nil, err
		}
		if n == 0 {
			return out, nil
		}
		out = append(out, buf[:n]...)
	}
}

// MemRegistrar is an in-memory Registrar.
type MemRegistrar struct {
	mu      sync.Mutex
	top     *MemEntry
	created int
	removed int
}

// NewMemRegistrar returns an empty in-memory namespace.
func NewMemRegistrar() *MemRegistrar {
	return &MemRegistrar{
		top: &MemEntry{name: "", dir: true, attr: Attr{Mode: syscall.S_IFDIR | 0o555}},
	}
}

func (r *MemRegistrar) Top() Entry { return r.top }

// TopEntry returns the top level as a *MemEntry.
func (r *MemRegistrar) TopEntry() *MemEntry { return r.top }

func (r *MemRegistrar) CreateDirectory(parent Entry, name string) (Entry, error) {
	return r.create(parent, &MemEntry{name: name, dir: true, attr: Attr{Mode: syscall.S_IFDIR | 0o555}})
}

func (r *MemRegistrar) CreateFile(parent Entry, name string, read ReadFunc) (Entry, error) {
	if read == nil {
		return nil, errors.New("file entry needs a read callback")
	}
	return r.create(parent, &MemEntry{name: name, read: read, attr: Attr{Mode: syscall.S_IFREG | 0o444}})
}

func (r *MemRegistrar) create(parent Entry, e *MemEntry) (Entry, error) {
	p, err := r.dirEntry(parent)
	if err != nil {
		return nil, err
	}
	if e.name == "" || strings.Contains(e.name, "/") {
		return nil, fmt.Errorf("invalid entry name %q: %w", e.name, syscall.EINVAL)
	}
	if p.Child(e.name) != nil {
		return nil, fmt.Errorf("%s/%s: %w", p.name, e.name, syscall.EEXIST)
	}

	e.parent = p
	p.mu.Lock()
	p.children = append(p.children, e)
	p.mu.Unlock()

	r.mu.Lock()
	r.created++
	r.mu.Unlock()
	return e, nil
}

func (r *MemRegistrar) Remove(parent Entry, name string) error {
	p, err := r.dirEntry(parent)
	if err != nil {
		return err
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	for i, c := range p.children {
		if c.name != name {
			continue
		}
		if len(c.Children()) > 0 {
			return fmt.Errorf("%s/%s: %w", p.name, name, syscall.ENOTEMPTY)
		}
		p.children = append(p.children[:i], p.children[i+1:]...)
		c.parent = nil

		r.mu.Lock()
		r.removed++
		r.mu.Unlock()
		return nil
	}
	return fmt.Errorf("%s/%s: %w", p.name, name, syscall.ENOENT)
}

func (r *MemRegistrar) dirEntry(e Entry) (*MemEntry, error) {
	m, ok := e.(*MemEntry)
	if !ok || m == nil {
		return nil, fmt.Errorf("foreign entry %T: %w", e, syscall.EINVAL)
	}
	if !m.dir {
		return nil, fmt.Errorf("%s: %w", m.name, syscall.ENOTDIR)
	}
	return m, nil
}

// Live returns the number of entries currently registered below the top level.
func (r *MemRegistrar) Live() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.created - r.removed
}

// Lookup resolves a slash separated path below the top level.
func (r *MemRegistrar) Lookup(path string) *MemEntry {
	cur := r.top
	for _, seg := range splitPath(path) {
		if cur = cur.Child(seg); cur == nil {
			return nil
		}
	}
	return cur
}

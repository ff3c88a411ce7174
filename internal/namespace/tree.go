//go:build linux

package namespace

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync/atomic"
	"syscall"

	"github.com/mrzor/fifomon/internal/fifo"
)

var (
	// ErrAllocationFailed is returned when a directory node cannot be created.
	ErrAllocationFailed = errors.New("namespace node allocation failed")
	// ErrRegistrationFailed is returned when a FIFO leaf or one of its
	// accessor files cannot be registered.
	ErrRegistrationFailed = errors.New("namespace registration failed")
)

// Kind tags a Node as a plain directory or a monitored FIFO.
type Kind int

const (
	KindDirectory Kind = iota
	KindFifo
)

func (k Kind) String() string {
	if k == KindFifo {
		return "fifo"
	}
	return "directory"
}

// Node is one segment of the tree. Children are owned; parent is a back-reference.
type Node struct {
	name   string
	kind   Kind
	fifo   atomic.Pointer[fifo.Fifo]
	parent *Node
	entry  Entry

	children []*Node
	index    map[string]*Node
	files    []string // accessor files registered under a fifo node
}

// Name returns the path segment of the node.
func (n *Node) Name() string { return n.name }

// Kind returns the node tag.
func (n *Node) Kind() Kind { return n.kind }

// Parent returns the parent node, nil for the root.
func (n *Node) Parent() *Node { return n.parent }

// Entry returns the registrar entry backing the node.
func (n *Node) Entry() Entry { return n.entry }

// Fifo returns the FIFO attached to a fifo node.
// It is safe to call concurrently with teardown.
func (n *Node) Fifo() (*fifo.Fifo, bool) {
	f := n.fifo.Load()
	return f, f != nil
}

// Child returns the child called name, or nil.
func (n *Node) Child(name string) *Node { return n.index[name] }

// Children returns a copy of the children in creation order.
func (n *Node) Children() []*Node {
	out := make([]*Node, len(n.children))
	copy(out, n.children)
	return out
}

// Files returns the accessor files registered under a fifo node.
func (n *Node) Files() []string {
	out := make([]string, len(n.files))
	copy(out, n.files)
	return out
}

// Path returns the slash separated path of the node below the tree root.
func (n *Node) Path() string {
	var parts []string
	for cur := n; cur.parent != nil; cur = cur.parent {
		parts = append(parts, cur.name)
	}
	for i, j := 0, len(parts)-1; i < j; i, j = i+1, j-1 {
		parts[i], parts[j] = parts[j], parts[i]
	}
	return "/" + strings.Join(parts, "/")
}

func (n *Node) adopt(child *Node) {
	if n.index == nil {
		n.index = make(map[string]*Node)
	}
	child.parent = n
	n.children = append(n.children, child)
	n.index[child.name] = child
}

func (n *Node) drop(child *Node) {
	delete(n.index, child.name)
	for i, c := range n.children {
		if c == child {
			n.children = append(n.children[:i], n.children[i+1:]...)
			break
		}
	}
}

// Accessor computes the content of one accessor file of a fifo node.
type Accessor func(ctx context.Context, n *Node, buf []byte, off int64) (int, error)

// Options tune the attributes of created entries.
type Options struct {
	// FileMode of accessor files, S_IFREG|0444 when zero.
	FileMode uint32
	UID      uint32
	GID      uint32
	// OnDetach is called once for every FIFO detached by RemoveAll.
	OnDetach func(*fifo.Fifo)
}

// Tree is the hierarchy of nodes under one root entry.
type Tree struct {
	reg       Registrar
	root      *Node
	accessors map[string]Accessor
	names     []string
	opts      Options
}

// NewTree creates a tree rooted at root, an entry already created through reg.
// accessors names the files created under every FIFO node.
func NewTree(reg Registrar, root Entry, rootName string, accessors map[string]Accessor, opts Options) (*Tree, error) {
	if reg == nil || root == nil {
		return nil, fmt.Errorf("namespace: registrar and root entry are required")
	}
	if len(accessors) == 0 {
		return nil, fmt.Errorf("namespace: no accessors configured")
	}

	names := make([]string, 0, len(accessors))
	for name, acc := range accessors {
		if name == "" || strings.Contains(name, "/") {
			return nil, fmt.Errorf("namespace: invalid accessor name %q", name)
		}
		if acc == nil {
			return nil, fmt.Errorf("namespace: accessor %q has no handler", name)
		}
		names = append(names, name)
	}
	sort.Strings(names)

	if opts.FileMode == 0 {
		opts.FileMode = syscall.S_IFREG | 0o444
	}

	return &Tree{
		reg:       reg,
		root:      &Node{name: rootName, kind: KindDirectory, entry: root},
		accessors: accessors,
		names:     names,
		opts:      opts,
	}, nil
}

// Root returns the root node.
func (t *Tree) Root() *Node { return t.root }

// Insert creates the nodes for path, reusing existing nodes of the same name,
// and turns the final node into a fifo node carrying f. On failure everything
// this call created is removed again and the caller keeps ownership of f.
func (t *Tree) Insert(path string, f *fifo.Fifo) (*Node, error) {
	if f == nil {
		return nil, fmt.Errorf("%w: %s: no fifo metadata", ErrRegistrationFailed, path)
	}

	segments := splitPath(path)
	if len(segments) == 0 {
		return nil, fmt.Errorf("%w: %q has no path segments", ErrRegistrationFailed, path)
	}

	var created []*Node
	rollback := func() {
		for i := len(created) - 1; i >= 0; i-- {
			_ = t.unlink(created[i]) //nolint:errcheck // best-effort rollback, the insert error is returned
		}
	}

	parent := t.root
	for _, seg := range segments {
		if seg == ".." {
			rollback()
			return nil, fmt.Errorf("%w: %s: parent segments are not allowed", ErrRegistrationFailed, path)
		}
		if parent.kind == KindFifo {
			rollback()
			return nil, fmt.Errorf("%w: %s: %s is a monitored fifo", ErrRegistrationFailed, path, parent.Path())
		}

		if child := parent.Child(seg); child != nil {
			parent = child
			continue
		}

		entry, err := t.reg.CreateDirectory(parent.entry, seg)
		if err == nil && entry == nil {
			err = errors.New("registrar returned no entry")
		}
		if err != nil {
			rollback()
			return nil, fmt.Errorf("%w: creating %q in %s: %v", ErrAllocationFailed, seg, parent.Path(), err)
		}

		child := &Node{name: seg, kind: KindDirectory, entry: entry}
		parent.adopt(child)
		created = append(created, child)
		parent = child
	}

	leaf := parent
	if leaf.kind == KindFifo {
		return nil, fmt.Errorf("%w: %s is already monitored", ErrRegistrationFailed, leaf.Path())
	}
	if len(leaf.children) > 0 {
		return nil, fmt.Errorf("%w: %s already has children", ErrRegistrationFailed, leaf.Path())
	}

	leaf.kind = KindFifo
	leaf.fifo.Store(f)

	for _, name := range t.names {
		entry, err := t.reg.CreateFile(leaf.entry, name, t.bind(t.accessors[name], leaf))
		if err == nil && entry == nil {
			err = errors.New("registrar returned no entry")
		}
		if err != nil {
			_ = t.removeFiles(leaf) //nolint:errcheck // best-effort rollback, the insert error is returned
			leaf.fifo.Store(nil)
			leaf.kind = KindDirectory
			rollback()
			return nil, fmt.Errorf("%w: creating %q in %s: %v", ErrRegistrationFailed, name, leaf.Path(), err)
		}
		entry.SetAttr(Attr{Mode: t.opts.FileMode, UID: t.opts.UID, GID: t.opts.GID})
		leaf.files = append(leaf.files, name)
	}

	return leaf, nil
}

func (t *Tree) bind(acc Accessor, n *Node) ReadFunc {
	return func(ctx context.Context, buf []byte, off int64) (int, error) {
		return acc(ctx, n, buf, off)
	}
}

// RemoveAll removes n and everything below it, children strictly before their
// parent. FIFO metadata is detached exactly once. Removal continues past
// registrar errors, which are joined into the result.
func (t *Tree) RemoveAll(n *Node) error {
	var errs []error

	for _, child := range n.Children() {
		if err := t.RemoveAll(child); err != nil {
			errs = append(errs, err)
		}
	}

	if n.kind == KindFifo {
		if err := t.removeFiles(n); err != nil {
			errs = append(errs, err)
		}
		if f := n.fifo.Swap(nil); f != nil && t.opts.OnDetach != nil {
			t.opts.OnDetach(f)
		}
		n.kind = KindDirectory
	}

	if err := t.unlink(n); err != nil {
		errs = append(errs, err)
	}

	return errors.Join(errs...)
}

func (t *Tree) removeFiles(n *Node) error {
	var errs []error
	for i := len(n.files) - 1; i >= 0; i-- {
		if err := t.reg.Remove(n.entry, n.files[i]); err != nil {
			errs = append(errs, fmt.Errorf("removing %s/%s: %w", n.Path(), n.files[i], err))
		}
	}
	n.files = nil
	return errors.Join(errs...)
}

func (t *Tree) unlink(n *Node) error {
	parent := t.reg.Top()
	if n.parent != nil {
		parent = n.parent.entry
	}

	err := t.reg.Remove(parent, n.name)
	if n.parent != nil {
		n.parent.drop(n)
	}
	if err != nil {
		return fmt.Errorf("removing %s: %w", n.Path(), err)
	}
	return nil
}

// Walk visits every node depth-first, parents before children.
func (t *Tree) Walk(fn func(n *Node) error) error {
	return walk(t.root, fn)
}

func walk(n *Node, fn func(*Node) error) error {
	if err := fn(n); err != nil {
		return err
	}
	for _, child := range n.children {
		if err := walk(child, fn); err != nil {
			return err
		}
	}
	return nil
}

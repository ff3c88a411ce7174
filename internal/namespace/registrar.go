package namespace

import (
	"context"
	"strings"
)

// Attr holds the settable attributes of a registered entry.
type Attr struct {
	Mode uint32 // file type and permission bits
	UID  uint32
	GID  uint32
	Size uint64
}

// Entry is a node created by a Registrar.
type Entry interface {
	Attr() Attr
	SetAttr(Attr)
}

// ReadFunc serves a read of a leaf file into buf at offset off and reports
// the number of bytes written.
type ReadFunc func(ctx context.Context, buf []byte, off int64) (int, error)

// Registrar creates and removes entries in the exposed namespace.
type Registrar interface {
	// Top is the registrar's own top level. It is never removed.
	Top() Entry
	CreateDirectory(parent Entry, name string) (Entry, error)
	CreateFile(parent Entry, name string, read ReadFunc) (Entry, error)
	Remove(parent Entry, name string) error
}

// splitPath returns the non-empty segments of path.
func splitPath(path string) []string {
	var segments []string
	for _, s := range strings.Split(path, "/") {
		if s != "" && s != "." {
			segments = append(segments, s)
		}
	}
	return segments
}

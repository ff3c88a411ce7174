//go:build linux

// Package status turns pipe snapshots into the text served by the accessor
// files of a monitored FIFO.
package status

import (
	"fmt"
	"sort"
	"strconv"
	"strings"

	"github.com/mrzor/fifomon/internal/pipestate"
)

// Status is a bit set of health flags. Zero means healthy.
type Status uint32

const (
	OK       Status = 0
	FifoFull Status = 1 << 0 // buffered bytes reached capacity
	NoReader Status = 1 << 1 // nobody has the read end open
)

// DefaultCapacity is used when neither configuration nor the pipe knows its size.
const DefaultCapacity uint64 = 65536

func (s Status) String() string {
	if s == OK {
		return "ok"
	}
	var parts []string
	if s&FifoFull != 0 {
		parts = append(parts, "full")
	}
	if s&NoReader != 0 {
		parts = append(parts, "no-reader")
	}
	return strings.Join(parts, "|")
}

// Compute derives the health flags of snap. capacity is the configured
// capacity, 0 to use the one reported by the pipe.
func Compute(snap pipestate.Snapshot, capacity uint64) Status {
	var s Status
	if snap.Bytes >= EffectiveCapacity(snap, capacity) {
		s |= FifoFull
	}
	if snap.Readers == 0 {
		s |= NoReader
	}
	return s
}

// EffectiveCapacity resolves the capacity a snapshot is measured against.
func EffectiveCapacity(snap pipestate.Snapshot, configured uint64) uint64 {
	switch {
	case configured > 0:
		return configured
	case snap.Capacity > 0:
		return snap.Capacity
	default:
		return DefaultCapacity
	}
}

// FormatCount renders n in decimal followed by a newline.
func FormatCount(n uint64) []byte {
	return append(strconv.AppendUint(nil, n, 10), '\n')
}

// FormatMode renders the permission bits of mode in octal followed by a newline.
func FormatMode(mode uint32) []byte {
	return append(strconv.AppendUint(nil, uint64(mode&0o777), 8), '\n')
}

// Renderer produces the content of one accessor file.
type Renderer func(snap pipestate.Snapshot, capacity uint64) []byte

// Property names served for every FIFO.
const (
	PropStatus  = "status"
	PropReaders = "readers"
	PropWriters = "writers"
	PropSize    = "size"
	PropMode    = "mode"
)

// Table maps accessor file names to renderers.
type Table map[string]Renderer

// DefaultTable returns the five standard properties.
func DefaultTable() Table {
	return Table{
		PropStatus: func(snap pipestate.Snapshot, capacity uint64) []byte {
			return FormatCount(uint64(Compute(snap, capacity)))
		},
		PropReaders: func(snap pipestate.Snapshot, _ uint64) []byte {
			return FormatCount(uint64(snap.Readers))
		},
		PropWriters: func(snap pipestate.Snapshot, _ uint64) []byte {
			return FormatCount(uint64(snap.Writers))
		},
		PropSize: func(snap pipestate.Snapshot, _ uint64) []byte {
			return FormatCount(snap.Bytes)
		},
		PropMode: func(snap pipestate.Snapshot, _ uint64) []byte {
			return FormatMode(snap.Mode)
		},
	}
}

// Names returns the property names in sorted order.
func (t Table) Names() []string {
	names := make([]string, 0, len(t))
	for name := range t {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Validate checks that every standard property is present and has a renderer.
func (t Table) Validate() error {
	var missing []string
	for _, name := range []string{PropStatus, PropReaders, PropWriters, PropSize, PropMode} {
		if t[name] == nil {
			missing = append(missing, name)
		}
	}
	if len(missing) > 0 {
		return fmt.Errorf("property table incomplete: missing %s", strings.Join(missing, ", "))
	}
	for name, r := range t {
		if name == "" || strings.Contains(name, "/") {
			return fmt.Errorf("invalid property name %q", name)
		}
		if r == nil {
			return fmt.Errorf("property %q has no renderer", name)
		}
	}
	return nil
}

//go:build linux

// Package fifo validates named pipes and records the identity used to find
// their live pipe state later.
package fifo

import (
	"errors"
	"fmt"
	"path/filepath"

	"go.uber.org/zap"
	"golang.org/x/sys/unix"
)

var (
	// ErrNotFound is returned when the path does not resolve.
	ErrNotFound = errors.New("fifo does not exist")
	// ErrStatFailed is returned when attributes of a resolved path cannot be read.
	ErrStatFailed = errors.New("fifo could not be stat'd")
	// ErrNotAFifo is returned when the resolved object is not a named pipe.
	ErrNotAFifo = errors.New("not a fifo")
)

// ID identifies the pipe behind a FIFO for the lifetime of the monitor.
type ID struct {
	Dev uint64
	Ino uint64
}

func (id ID) String() string {
	return fmt.Sprintf("%d:%d/%d", unix.Major(id.Dev), unix.Minor(id.Dev), id.Ino)
}

// Fifo is one monitored named pipe. It is immutable once validated.
type Fifo struct {
	Path string // absolute, cleaned
	ID   ID
	Mode uint32 // st_mode at validation time
}

// Validator checks candidate paths.
type Validator struct {
	log *zap.Logger
}

// NewValidator creates a Validator logging through logger.
func NewValidator(logger *zap.Logger) *Validator {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Validator{log: logger}
}

// Validate confirms path is an existing FIFO and returns its identity.
// No descriptor stays open after it returns.
func (v *Validator) Validate(path string) (*Fifo, error) {
	abs, err := filepath.Abs(path)
	if err != nil {
		v.log.Warn("Ignoring FIFO queue, path cannot be resolved", zap.String("path", path), zap.Error(err))
		return nil, fmt.Errorf("%w: %s: %v", ErrNotFound, path, err)
	}

	fd, err := unix.Open(abs, unix.O_PATH|unix.O_CLOEXEC, 0)
	if err != nil {
		v.log.Warn("Ignoring FIFO queue, does not exist", zap.String("path", abs), zap.Error(err))
		return nil, fmt.Errorf("%w: %s: %v", ErrNotFound, abs, err)
	}
	defer func() {
		_ = unix.Close(fd) //nolint:errcheck // O_PATH descriptor, nothing to flush
	}()

	var st unix.Stat_t
	if err := unix.Fstat(fd, &st); err != nil {
		v.log.Warn("FIFO queue not able to be stat'd", zap.String("path", abs), zap.Error(err))
		return nil, fmt.Errorf("%w: %s: %v", ErrStatFailed, abs, err)
	}

	if st.Mode&unix.S_IFMT != unix.S_IFIFO {
		v.log.Warn("Ignoring file, not a fifo queue", zap.String("path", abs),
			zap.String("type", fileType(st.Mode)))
		return nil, fmt.Errorf("%w: %s is a %s", ErrNotAFifo, abs, fileType(st.Mode))
	}

	f := &Fifo{
		Path: abs,
		ID:   ID{Dev: uint64(st.Dev), Ino: st.Ino}, //nolint:unconvert // Dev is uint32 on some arches
		Mode: st.Mode,
	}
	v.log.Info("Monitoring FIFO queue", zap.String("path", abs), zap.Stringer("id", f.ID))
	return f, nil
}

func fileType(mode uint32) string {
	switch mode & unix.S_IFMT {
	case unix.S_IFREG:
		return "regular file"
	case unix.S_IFDIR:
		return "directory"
	case unix.S_IFLNK:
		return "symlink"
	case unix.S_IFCHR:
		return "character device"
	case unix.S_IFBLK:
		return "block device"
	case unix.S_IFSOCK:
		return "socket"
	default:
		return "unknown file type"
	}
}

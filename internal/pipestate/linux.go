//go:build linux

package pipestate

import (
	"errors"
	"fmt"
	"path/filepath"
	"strconv"
	"sync"

	"github.com/mrzor/fifomon/internal/fifo"
	"github.com/prometheus/procfs"
	"go.uber.org/zap"
	"golang.org/x/sys/unix"
)

var (
	errNotTracked     = errors.New("fifo is not tracked")
	errAlreadyTracked = errors.New("fifo is already tracked")
	errIdentityMoved  = errors.New("inode identity changed")
)

// pinned is an O_PATH descriptor on a tracked FIFO. It keeps the inode
// alive without opening the pipe.
type pinned struct {
	path string
	id   fifo.ID
	fd   int
}

// LinuxHost resolves pipe state through /proc.
//
// Tracked FIFOs live in an inode table keyed by device then inode number.
// Readers and writers are counted by scanning the descriptor tables of all
// processes, so only descriptors visible to the monitor are counted.
type LinuxHost struct {
	mu      sync.RWMutex
	devices map[uint64]map[uint64]*pinned // dev -> ino -> pin

	procRoot string
	fs       procfs.FS
	log      *zap.Logger
}

// NewLinuxHost creates a host reading process state below procRoot.
func NewLinuxHost(procRoot string, logger *zap.Logger) (*LinuxHost, error) {
	if procRoot == "" {
		procRoot = procfs.DefaultMountPoint
	}
	fs, err := procfs.NewFS(procRoot)
	if err != nil {
		return nil, fmt.Errorf("opening %s: %w", procRoot, err)
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &LinuxHost{
		devices:  make(map[uint64]map[uint64]*pinned),
		procRoot: procRoot,
		fs:       fs,
		log:      logger,
	}, nil
}

// Track opens path with O_PATH and checks it is still the inode id names.
func (h *LinuxHost) Track(path string, id fifo.ID) error {
	fd, err := unix.Open(path, unix.O_PATH|unix.O_CLOEXEC, 0)
	if err != nil {
		return fmt.Errorf("pinning %s: %w", path, err)
	}

	var st unix.Stat_t
	if err := unix.Fstat(fd, &st); err != nil {
		_ = unix.Close(fd) //nolint:errcheck // O_PATH descriptor
		return fmt.Errorf("pinning %s: %w", path, err)
	}
	if got := statID(&st); got != id {
		_ = unix.Close(fd) //nolint:errcheck // O_PATH descriptor
		return fmt.Errorf("pinning %s: %w: expected %s, found %s", path, errIdentityMoved, id, got)
	}

	h.mu.Lock()
	defer h.mu.Unlock()

	inodes, ok := h.devices[id.Dev]
	if !ok {
		inodes = make(map[uint64]*pinned)
		h.devices[id.Dev] = inodes
	}
	if _, dup := inodes[id.Ino]; dup {
		_ = unix.Close(fd) //nolint:errcheck // O_PATH descriptor
		return fmt.Errorf("%w: %s (%s)", errAlreadyTracked, path, id)
	}
	inodes[id.Ino] = &pinned{path: path, id: id, fd: fd}

	h.log.Debug("Pinned FIFO inode", zap.String("path", path), zap.Stringer("id", id), zap.Int("fd", fd))
	return nil
}

// Untrack closes the pinned descriptor of id.
func (h *LinuxHost) Untrack(id fifo.ID) error {
	h.mu.Lock()
	defer h.mu.Unlock()

	inodes := h.devices[id.Dev]
	p, ok := inodes[id.Ino]
	if !ok {
		return fmt.Errorf("%w: %s", errNotTracked, id)
	}
	delete(inodes, id.Ino)
	if len(inodes) == 0 {
		delete(h.devices, id.Dev)
	}

	if err := unix.Close(p.fd); err != nil {
		return fmt.Errorf("unpinning %s: %w", p.path, err)
	}
	h.log.Debug("Unpinned FIFO inode", zap.String("path", p.path), zap.Stringer("id", id))
	return nil
}

// Tracked returns the number of pinned inodes.
func (h *LinuxHost) Tracked() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	n := 0
	for _, inodes := range h.devices {
		n += len(inodes)
	}
	return n
}

// Close unpins everything still tracked.
func (h *LinuxHost) Close() error {
	h.mu.Lock()
	defer h.mu.Unlock()

	var errs []error
	for dev, inodes := range h.devices {
		for _, p := range inodes {
			if err := unix.Close(p.fd); err != nil {
				errs = append(errs, fmt.Errorf("unpinning %s: %w", p.path, err))
			}
		}
		delete(h.devices, dev)
	}
	return errors.Join(errs...)
}

// Device looks up the inode table of dev.
func (h *LinuxHost) Device(dev uint64) (Device, error) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	if _, ok := h.devices[dev]; !ok {
		return nil, fmt.Errorf("device %d:%d: %w", unix.Major(dev), unix.Minor(dev), errNotTracked)
	}
	return &linuxDevice{host: h, dev: dev}, nil
}

type linuxDevice struct {
	host *LinuxHost
	dev  uint64
}

func (d *linuxDevice) Store() (Store, error) {
	s := &linuxStore{host: d.host, dev: d.dev}

	// The mount is informational; a device hidden from our mount
	// namespace still resolves through its pinned descriptors.
	mounts, err := procfs.GetMounts()
	if err != nil {
		d.host.log.Debug("Reading mountinfo failed", zap.Error(err))
		return s, nil
	}
	want := fmt.Sprintf("%d:%d", unix.Major(d.dev), unix.Minor(d.dev))
	for _, m := range mounts {
		if m.MajorMinorVer == want {
			s.mountPoint = m.MountPoint
			s.fsType = m.FSType
			break
		}
	}
	return s, nil
}

func (d *linuxDevice) Release() {}

type linuxStore struct {
	host       *LinuxHost
	dev        uint64
	mountPoint string
	fsType     string
}

func (s *linuxStore) Inode(ino uint64) (Inode, error) {
	s.host.mu.RLock()
	p, ok := s.host.devices[s.dev][ino]
	s.host.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("inode %d on %s: %w", ino, s.describe(), errNotTracked)
	}

	var st unix.Stat_t
	if err := unix.Fstat(p.fd, &st); err != nil {
		return nil, fmt.Errorf("stat %s: %w", p.path, err)
	}
	if got := statID(&st); got != p.id {
		return nil, fmt.Errorf("%s: %w: found %s", p.path, errIdentityMoved, got)
	}
	return &linuxInode{host: s.host, pin: p, mode: st.Mode}, nil
}

func (s *linuxStore) describe() string {
	if s.mountPoint == "" {
		return fmt.Sprintf("device %d:%d", unix.Major(s.dev), unix.Minor(s.dev))
	}
	return fmt.Sprintf("%s (%s)", s.mountPoint, s.fsType)
}

func (s *linuxStore) Release() {}

type linuxInode struct {
	host *LinuxHost
	pin  *pinned
	mode uint32
}

// Pipe counts the descriptors open on the inode. Buffered bytes and capacity
// are only read through a descriptor of our own, and that descriptor is only
// opened while another reader exists. Opening the read end of a FIFO without
// readers would wake writers blocked in open(2), and they would hit EPIPE as
// soon as it closed again. Without readers the pipe reports 0 bytes and an
// unknown capacity.
func (i *linuxInode) Pipe() (Pipe, error) {
	readers, writers, err := i.host.countHolders(i.pin.id)
	if err != nil {
		return nil, err
	}

	p := &linuxPipe{fd: -1, snap: Snapshot{Readers: readers, Writers: writers, Mode: i.mode}}
	if readers == 0 {
		return p, nil
	}

	through := filepath.Join(i.host.procRoot, "self", "fd", strconv.Itoa(i.pin.fd))
	fd, err := unix.Open(through, unix.O_RDONLY|unix.O_NONBLOCK|unix.O_CLOEXEC, 0)
	if err != nil {
		return nil, fmt.Errorf("opening pipe of %s: %w", i.pin.path, err)
	}
	p.fd = fd
	return p, nil
}

func (i *linuxInode) Release() {}

type linuxPipe struct {
	fd   int
	snap Snapshot
}

func (p *linuxPipe) Snapshot() (Snapshot, error) {
	if p.fd < 0 {
		return p.snap, nil
	}

	snap := p.snap
	// TIOCINQ is FIONREAD under its Linux name.
	n, err := unix.IoctlGetInt(p.fd, unix.TIOCINQ)
	if err != nil {
		return Snapshot{}, fmt.Errorf("TIOCINQ: %w", err)
	}
	snap.Bytes = uint64(n) //nolint:gosec // never negative

	size, err := unix.FcntlInt(uintptr(p.fd), unix.F_GETPIPE_SZ, 0)
	if err == nil && size > 0 {
		snap.Capacity = uint64(size)
	}
	return snap, nil
}

func (p *linuxPipe) Release() {
	if p.fd >= 0 {
		_ = unix.Close(p.fd) //nolint:errcheck // read-only probe descriptor
		p.fd = -1
	}
}

// countHolders scans every visible process for descriptors on id.
// O_PATH descriptors, including our own pins, do not count.
func (h *LinuxHost) countHolders(id fifo.ID) (readers, writers uint32, err error) {
	procs, err := h.fs.AllProcs()
	if err != nil {
		return 0, 0, fmt.Errorf("listing processes: %w", err)
	}

	for _, proc := range procs {
		fds, err := proc.FileDescriptors()
		if err != nil {
			// Exited, or not ours to look at.
			continue
		}
		for _, fd := range fds {
			fdName := strconv.FormatUint(uint64(fd), 10)

			var st unix.Stat_t
			link := filepath.Join(h.procRoot, strconv.Itoa(proc.PID), "fd", fdName)
			if err := unix.Stat(link, &st); err != nil || statID(&st) != id {
				continue
			}

			info, err := proc.FDInfo(fdName)
			if err != nil {
				continue
			}
			flags, err := strconv.ParseUint(info.Flags, 8, 64)
			if err != nil {
				h.log.Debug("Unparsable fdinfo flags",
					zap.Int("pid", proc.PID), zap.String("fd", fdName), zap.String("flags", info.Flags))
				continue
			}
			if flags&unix.O_PATH != 0 {
				continue
			}

			switch flags & unix.O_ACCMODE {
			case unix.O_RDONLY:
				readers++
			case unix.O_WRONLY:
				writers++
			case unix.O_RDWR:
				readers++
				writers++
			}
		}
	}
	return readers, writers, nil
}

func statID(st *unix.Stat_t) fifo.ID {
	return fifo.ID{Dev: uint64(st.Dev), Ino: st.Ino} //nolint:unconvert // Dev is uint32 on some arches
}

//go:build linux

package pipestate

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/mrzor/fifomon/internal/fifo"
	"go.uber.org/zap"
)

// ErrPipeUnavailable is returned when any resolution stage fails.
var ErrPipeUnavailable = errors.New("pipe state unavailable")

// Host is the entry point into the system's device, inode and pipe tables.
type Host interface {
	// Track pins the inode of the FIFO at path so later lookups by id find it.
	Track(path string, id fifo.ID) error
	// Untrack releases what Track pinned.
	Untrack(id fifo.ID) error
	Device(dev uint64) (Device, error)
}

// Device is a resolved device.
type Device interface {
	Store() (Store, error)
	Release()
}

// Store is the inode store of a device.
type Store interface {
	Inode(ino uint64) (Inode, error)
	Release()
}

// Inode is a resolved inode.
type Inode interface {
	Pipe() (Pipe, error)
	Release()
}

// Pipe is the live pipe attached to an inode.
type Pipe interface {
	Snapshot() (Snapshot, error)
	Release()
}

// Snapshot holds the counters of a pipe at one point in time.
//
// WaitingWriters counts writers blocked in open(2). Such a writer holds no
// descriptor yet, so LinuxHost cannot see it and always reports 0.
type Snapshot struct {
	Readers        uint32
	Writers        uint32
	WaitingWriters uint32
	Bytes          uint64 // buffered, not yet read
	Capacity       uint64 // 0 when unknown
	Mode           uint32 // st_mode of the inode
}

// TotalWriters counts active and waiting writers together.
func (s Snapshot) TotalWriters() uint32 {
	return s.Writers + s.WaitingWriters
}

// Option configures a Resolver.
type Option func(*Resolver)

// WithLockWaitObserver reports how long every WithPipe call waited for the lock.
func WithLockWaitObserver(fn func(time.Duration)) Option {
	return func(r *Resolver) {
		r.observeWait = fn
	}
}

// WithLogger sets the logger used for resolution failures.
func WithLogger(logger *zap.Logger) Option {
	return func(r *Resolver) {
		if logger != nil {
			r.log = logger
		}
	}
}

// Resolver resolves pipes one at a time.
type Resolver struct {
	mu          sync.Mutex
	host        Host
	log         *zap.Logger
	observeWait func(time.Duration)
}

// NewResolver creates a Resolver over host.
func NewResolver(host Host, opts ...Option) *Resolver {
	r := &Resolver{
		host: host,
		log:  zap.NewNop(),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Track pins a validated FIFO in the host.
func (r *Resolver) Track(path string, id fifo.ID) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.host.Track(path, id)
}

// Untrack unpins a FIFO.
func (r *Resolver) Untrack(id fifo.ID) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.host.Untrack(id)
}

// WithPipe resolves the pipe behind id and calls fn with it while holding the
// resolver lock. If a stage fails, fn is not called and ErrPipeUnavailable is
// returned. Everything acquired is released, pipe first and device last, before
// the lock is dropped, also when fn panics.
func (r *Resolver) WithPipe(id fifo.ID, fn func(Pipe) error) error {
	start := time.Now()
	r.mu.Lock()
	if r.observeWait != nil {
		r.observeWait(time.Since(start))
	}

	var held []func()
	defer func() {
		for i := len(held) - 1; i >= 0; i-- {
			held[i]()
		}
		r.mu.Unlock()
	}()

	dev, err := r.host.Device(id.Dev)
	if err != nil {
		return r.unavailable(id, "device", err)
	}
	held = append(held, dev.Release)

	store, err := dev.Store()
	if err != nil {
		return r.unavailable(id, "store", err)
	}
	held = append(held, store.Release)

	ino, err := store.Inode(id.Ino)
	if err != nil {
		return r.unavailable(id, "inode", err)
	}
	held = append(held, ino.Release)

	pipe, err := ino.Pipe()
	if err != nil {
		return r.unavailable(id, "pipe", err)
	}
	held = append(held, pipe.Release)

	return fn(pipe)
}

func (r *Resolver) unavailable(id fifo.ID, stage string, err error) error {
	r.log.Debug("Pipe resolution failed",
		zap.Stringer("id", id), zap.String("stage", stage), zap.Error(err))
	return fmt.Errorf("%w: %s %s: %v", ErrPipeUnavailable, stage, id, err)
}

//go:build linux

package monitor

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"syscall"

	"github.com/mrzor/fifomon/internal/fifo"
	"github.com/mrzor/fifomon/internal/metrics"
	"github.com/mrzor/fifomon/internal/namespace"
	"github.com/mrzor/fifomon/internal/pipestate"
	"github.com/mrzor/fifomon/internal/status"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"
	"go.uber.org/zap"
)

var (
	// ErrAlreadyRunning is returned by Start on a running service.
	ErrAlreadyRunning = errors.New("monitor already running")
	// ErrNotRunning is returned by Stop on a stopped service.
	ErrNotRunning = errors.New("monitor not running")
)

// State of the service lifecycle.
type State int

const (
	Stopped State = iota
	Running
)

func (s State) String() string {
	if s == Running {
		return "running"
	}
	return "stopped"
}

// Tracker pins and unpins FIFO inodes. *pipestate.Resolver implements it.
type Tracker interface {
	Track(path string, id fifo.ID) error
	Untrack(id fifo.ID) error
	WithPipe(id fifo.ID, fn func(pipestate.Pipe) error) error
}

// Config configures a Service.
type Config struct {
	// RootName is the directory created under the registrar's top level.
	RootName string
	// Capacity at which a FIFO is reported full, 0 for the live pipe capacity.
	Capacity uint64
	UID      uint32
	GID      uint32
}

// Service is the FIFO monitor.
type Service struct {
	cfg       Config
	reg       namespace.Registrar
	validator *fifo.Validator
	resolver  Tracker
	table     status.Table
	log       *zap.Logger
	metrics   *metrics.Metrics
	tracer    trace.Tracer

	mu    sync.Mutex
	state State
	tree  *namespace.Tree
	fifos []*fifo.Fifo
}

// Option configures optional collaborators of a Service.
type Option func(*Service)

// WithLogger sets the service logger.
func WithLogger(logger *zap.Logger) Option {
	return func(s *Service) {
		if logger != nil {
			s.log = logger
		}
	}
}

// WithMetrics records service activity in m.
func WithMetrics(m *metrics.Metrics) Option {
	return func(s *Service) { s.metrics = m }
}

// WithTracer traces every accessor read.
func WithTracer(t trace.Tracer) Option {
	return func(s *Service) {
		if t != nil {
			s.tracer = t
		}
	}
}

// WithTable replaces the accessor property table.
func WithTable(t status.Table) Option {
	return func(s *Service) { s.table = t }
}

// New creates a stopped Service exposing FIFOs through reg.
func New(cfg Config, reg namespace.Registrar, resolver Tracker, opts ...Option) (*Service, error) {
	if reg == nil || resolver == nil {
		return nil, errors.New("monitor: registrar and resolver are required")
	}
	if cfg.RootName == "" {
		cfg.RootName = "fifo"
	}

	s := &Service{
		cfg:      cfg,
		reg:      reg,
		resolver: resolver,
		table:    status.DefaultTable(),
		log:      zap.NewNop(),
		tracer:   noop.NewTracerProvider().Tracer("fifomon"),
	}
	for _, opt := range opts {
		opt(s)
	}
	if err := s.table.Validate(); err != nil {
		return nil, fmt.Errorf("monitor: %w", err)
	}
	s.validator = fifo.NewValidator(s.log)
	return s, nil
}

// State returns the lifecycle state.
func (s *Service) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Count returns the number of exposed FIFOs.
func (s *Service) Count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.fifos)
}

// Fifos returns the exposed FIFOs in the order they were added.
func (s *Service) Fifos() []*fifo.Fifo {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]*fifo.Fifo, len(s.fifos))
	copy(out, s.fifos)
	return out
}

// Tree returns the namespace tree, nil while stopped.
func (s *Service) Tree() *namespace.Tree {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.tree
}

// Start creates the root directory and exposes every path that validates.
// Paths that fail are logged and skipped. It returns how many were exposed.
func (s *Service) Start(paths []string) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.state == Running {
		return 0, ErrAlreadyRunning
	}

	top := s.reg.Top()
	root, err := s.reg.CreateDirectory(top, s.cfg.RootName)
	if err != nil {
		return 0, fmt.Errorf("creating %s: %w", s.cfg.RootName, err)
	}
	root.SetAttr(namespace.Attr{Mode: syscall.S_IFDIR | 0o755})

	accessors := make(map[string]namespace.Accessor, len(s.table))
	for name, render := range s.table {
		accessors[name] = s.accessor(name, render)
	}

	tree, err := namespace.NewTree(s.reg, root, s.cfg.RootName, accessors, namespace.Options{
		UID:      s.cfg.UID,
		GID:      s.cfg.GID,
		OnDetach: s.detach,
	})
	if err != nil {
		_ = s.reg.Remove(top, s.cfg.RootName) //nolint:errcheck // returning the construction error
		return 0, err
	}

	s.fifos = nil
	for _, path := range paths {
		if f := s.add(tree, path); f != nil {
			s.fifos = append(s.fifos, f)
		}
	}

	root.SetAttr(namespace.Attr{Mode: syscall.S_IFDIR | 0o755, Size: uint64(len(s.fifos))})
	s.tree = tree
	s.state = Running
	s.metrics.SetMonitored(len(s.fifos))

	s.log.Info("FIFO monitor started",
		zap.String("root", s.cfg.RootName),
		zap.Int("monitored", len(s.fifos)),
		zap.Int("requested", len(paths)))
	return len(s.fifos), nil
}

func (s *Service) add(tree *namespace.Tree, path string) *fifo.Fifo {
	f, err := s.validator.Validate(path)
	if err != nil {
		s.metrics.RecordValidationFailure(failureReason(err))
		return nil
	}

	if err := s.resolver.Track(f.Path, f.ID); err != nil {
		s.log.Warn("Ignoring FIFO queue, inode cannot be pinned", zap.String("path", f.Path), zap.Error(err))
		s.metrics.RecordValidationFailure("track_failed")
		return nil
	}

	if _, err := tree.Insert(f.Path, f); err != nil {
		s.log.Warn("Ignoring FIFO queue, cannot be exposed", zap.String("path", f.Path), zap.Error(err))
		s.metrics.RecordValidationFailure(failureReason(err))
		if uerr := s.resolver.Untrack(f.ID); uerr != nil {
			s.log.Warn("Unpinning FIFO inode failed", zap.String("path", f.Path), zap.Error(uerr))
		}
		return nil
	}
	return f
}

func failureReason(err error) string {
	switch {
	case errors.Is(err, fifo.ErrNotFound):
		return "not_found"
	case errors.Is(err, fifo.ErrStatFailed):
		return "stat_failed"
	case errors.Is(err, fifo.ErrNotAFifo):
		return "not_a_fifo"
	case errors.Is(err, namespace.ErrAllocationFailed):
		return "allocation_failed"
	case errors.Is(err, namespace.ErrRegistrationFailed):
		return "registration_failed"
	default:
		return "other"
	}
}

// Stop removes the whole tree, children before parents, and unpins every FIFO.
func (s *Service) Stop() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.state != Running {
		return ErrNotRunning
	}

	var errs []error
	root := s.tree.Root()
	for _, child := range root.Children() {
		if err := s.tree.RemoveAll(child); err != nil {
			errs = append(errs, err)
		}
	}
	if err := s.tree.RemoveAll(root); err != nil {
		errs = append(errs, err)
	}

	s.tree = nil
	s.fifos = nil
	s.state = Stopped
	s.metrics.SetMonitored(0)

	if err := errors.Join(errs...); err != nil {
		s.log.Error("FIFO monitor stopped with errors", zap.Error(err))
		return err
	}
	s.log.Info("FIFO monitor stopped")
	return nil
}

func (s *Service) detach(f *fifo.Fifo) {
	if err := s.resolver.Untrack(f.ID); err != nil {
		s.log.Warn("Unpinning FIFO inode failed", zap.String("path", f.Path), zap.Error(err))
	}
}

// accessor serves one property. Content exists only at offset 0; anything
// that prevents a snapshot yields an empty read.
func (s *Service) accessor(name string, render status.Renderer) namespace.Accessor {
	return func(ctx context.Context, n *namespace.Node, buf []byte, off int64) (int, error) {
		if off > 0 {
			return 0, nil
		}

		f, ok := n.Fifo()
		if !ok {
			s.metrics.RecordRead(name, metrics.ResultUnavailable)
			return 0, nil
		}

		_, span := s.tracer.Start(ctx, "fifomon.read", trace.WithAttributes(
			attribute.String("fifo.path", f.Path),
			attribute.String("fifo.id", f.ID.String()),
			attribute.String("fifo.property", name),
		))
		defer span.End()

		var out []byte
		err := s.resolver.WithPipe(f.ID, func(p pipestate.Pipe) error {
			snap, err := p.Snapshot()
			if err != nil {
				return err
			}
			span.SetAttributes(
				attribute.Int64("fifo.readers", int64(snap.Readers)),
				attribute.Int64("fifo.writers", int64(snap.Writers)),
				attribute.Int64("fifo.writers.total", int64(snap.TotalWriters())),
				attribute.Int64("fifo.bytes", int64(snap.Bytes)), //nolint:gosec // pipe buffers are small
				attribute.String("fifo.status", status.Compute(snap, s.cfg.Capacity).String()),
			)
			out = render(snap, s.cfg.Capacity)
			return nil
		})

		switch {
		case errors.Is(err, pipestate.ErrPipeUnavailable):
			s.metrics.RecordRead(name, metrics.ResultUnavailable)
			span.SetStatus(codes.Error, "pipe unavailable")
			return 0, nil
		case err != nil:
			s.log.Debug("Snapshot failed", zap.String("path", f.Path), zap.String("property", name), zap.Error(err))
			s.metrics.RecordRead(name, metrics.ResultError)
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
			return 0, nil
		}

		s.metrics.RecordRead(name, metrics.ResultOK)
		return copy(buf, out), nil
	}
}

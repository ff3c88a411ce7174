//go:build linux

// fifomon exposes the reader/writer state of named pipes as a read-only file tree.
package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"net"
	"net/http"
	"os"
	"os/signal"
	"path"
	"strings"
	"syscall"
	"time"

	"github.com/mrzor/fifomon/internal/config"
	"github.com/mrzor/fifomon/internal/fusefs"
	"github.com/mrzor/fifomon/internal/logging"
	"github.com/mrzor/fifomon/internal/metrics"
	"github.com/mrzor/fifomon/internal/monitor"
	"github.com/mrzor/fifomon/internal/namespace"
	"github.com/mrzor/fifomon/internal/otel"
	"github.com/mrzor/fifomon/internal/pipestate"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
)

// Version information injected at build time.
var (
	version = "dev"
	commit  = "unknown"
)

func main() {
	if err := run(os.Args, os.Stdout); err != nil {
		log.Fatalf("Error: %v", err)
	}
}

func run(args []string, stdout io.Writer) error {
	cfg, err := config.ParseArgs(args)
	if err != nil {
		return err
	}

	logger, err := setupLogger()
	if err != nil {
		return err
	}
	defer func() { _ = logger.Sync() }() //nolint:errcheck // stderr sync fails on some terminals

	logger.Debug("Starting fifomon",
		zap.String("version", version),
		zap.String("commit", commit),
		zap.String("command", cfg.Command),
		zap.Strings("paths", cfg.Paths))

	tracer, cleanupOTEL, err := setupOTEL(logger)
	if err != nil {
		return err
	}
	defer cleanupOTEL()

	m := metrics.New()
	cleanupMetrics, err := setupMetricsServer(cfg.MetricsListen, m, logger)
	if err != nil {
		return err
	}
	defer cleanupMetrics()

	resolver, cleanupHost, err := setupResolver(m, logger)
	if err != nil {
		return err
	}
	defer cleanupHost()

	switch cfg.Command {
	case config.CommandMount:
		return runMount(cfg, resolver, m, tracer, logger)
	case config.CommandList:
		return runList(cfg, resolver, m, tracer, logger, stdout)
	default:
		return fmt.Errorf("unknown command %q", cfg.Command)
	}
}

// setupLogger builds the process logger from FIFOMON_LOG_* variables.
func setupLogger() (*zap.Logger, error) {
	logCfg, err := config.ParseLogConfig()
	if err != nil {
		return nil, err
	}
	logger, err := logging.New(logCfg.Logging())
	if err != nil {
		return nil, fmt.Errorf("failed to create logger: %w", err)
	}
	return logger, nil
}

// setupOTEL initializes the OTEL provider and returns a tracer and cleanup function.
func setupOTEL(logger *zap.Logger) (trace.Tracer, func(), error) {
	otelCfg, err := config.ParseOTELConfig()
	if err != nil {
		return nil, nil, fmt.Errorf("failed to parse OTEL config: %w", err)
	}

	tp, err := otel.InitProvider(otelCfg, logging.Component(logger, "otel"))
	if err != nil {
		return nil, nil, fmt.Errorf("failed to initialize OTEL provider: %w", err)
	}

	cleanup := func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := tp.Shutdown(shutdownCtx); err != nil {
			logger.Warn("Error shutting down OTEL provider", zap.Error(err))
		}
	}

	return tp.Tracer(), cleanup, nil
}

// setupMetricsServer serves /metrics on addr. An empty addr disables it.
func setupMetricsServer(addr string, m *metrics.Metrics, logger *zap.Logger) (func(), error) {
	if addr == "" {
		return func() {}, nil
	}

	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("metrics listener on %s: %w", addr, err)
	}

	mux := http.NewServeMux()
	mux.Handle("/metrics", m.Handler())
	srv := &http.Server{Handler: mux, ReadHeaderTimeout: 5 * time.Second}

	go func() {
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("Metrics server failed", zap.Error(err))
		}
	}()
	logger.Info("Serving metrics", zap.String("addr", ln.Addr().String()))

	cleanup := func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := srv.Shutdown(ctx); err != nil {
			logger.Warn("Error shutting down metrics server", zap.Error(err))
		}
	}
	return cleanup, nil
}

// setupResolver creates the /proc backed pipe resolver.
func setupResolver(m *metrics.Metrics, logger *zap.Logger) (*pipestate.Resolver, func(), error) {
	host, err := pipestate.NewLinuxHost("", logging.Component(logger, "pipestate"))
	if err != nil {
		return nil, nil, err
	}

	resolver := pipestate.NewResolver(host,
		pipestate.WithLogger(logging.Component(logger, "resolver")),
		pipestate.WithLockWaitObserver(m.ObserveLockWait),
	)

	cleanup := func() {
		if err := host.Close(); err != nil {
			logger.Warn("Error unpinning FIFOs", zap.Error(err))
		}
	}
	return resolver, cleanup, nil
}

func newService(cfg *config.Config, reg namespace.Registrar, resolver *pipestate.Resolver,
	m *metrics.Metrics, tracer trace.Tracer, logger *zap.Logger,
) (*monitor.Service, error) {
	return monitor.New(monitor.Config{
		RootName: cfg.RootName,
		Capacity: cfg.Capacity,
		UID:      cfg.UID,
		GID:      cfg.GID,
	}, reg, resolver,
		monitor.WithLogger(logging.Component(logger, "monitor")),
		monitor.WithMetrics(m),
		monitor.WithTracer(tracer),
	)
}

// runMount serves the tree until SIGINT/SIGTERM or an external unmount.
func runMount(cfg *config.Config, resolver *pipestate.Resolver, m *metrics.Metrics,
	tracer trace.Tracer, logger *zap.Logger,
) error {
	root := fusefs.NewRoot()
	server, err := fusefs.Mount(cfg.Mountpoint, root, fusefs.MountOptions{
		AllowOther: cfg.AllowOther,
		Debug:      cfg.FuseDebug,
	})
	if err != nil {
		return err
	}

	svc, err := newService(cfg, fusefs.NewRegistrar(root, logging.Component(logger, "fusefs")), resolver, m, tracer, logger)
	if err != nil {
		_ = server.Unmount() //nolint:errcheck // returning the construction error
		return err
	}

	n, err := svc.Start(cfg.Paths)
	if err != nil {
		_ = server.Unmount() //nolint:errcheck // returning the start error
		return err
	}
	logger.Info("Serving FIFO state",
		zap.String("mountpoint", cfg.Mountpoint),
		zap.Int("monitored", n))

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigCh)

	unmounted := make(chan struct{})
	go func() {
		server.Wait()
		close(unmounted)
	}()

	select {
	case sig := <-sigCh:
		logger.Info("Received signal, unmounting", zap.Stringer("signal", sig))
	case <-unmounted:
		logger.Info("Filesystem was unmounted externally")
	}

	var errs []error
	if err := svc.Stop(); err != nil {
		errs = append(errs, err)
	}
	select {
	case <-unmounted:
	default:
		if err := server.Unmount(); err != nil {
			errs = append(errs, fmt.Errorf("unmounting %s: %w", cfg.Mountpoint, err))
		}
	}
	return errors.Join(errs...)
}

// runList builds the tree in memory and prints every accessor file once.
func runList(cfg *config.Config, resolver *pipestate.Resolver, m *metrics.Metrics,
	tracer trace.Tracer, logger *zap.Logger, stdout io.Writer,
) error {
	reg := namespace.NewMemRegistrar()
	svc, err := newService(cfg, reg, resolver, m, tracer, logger)
	if err != nil {
		return err
	}
	if _, err := svc.Start(cfg.Paths); err != nil {
		return err
	}

	walkErr := svc.Tree().Walk(func(n *namespace.Node) error {
		if n.Kind() != namespace.KindFifo {
			return nil
		}
		for _, name := range n.Files() {
			p := path.Join(cfg.RootName, n.Path(), name)
			e := reg.Lookup(p)
			if e == nil {
				return fmt.Errorf("%s: entry vanished", p)
			}
			out, err := e.ReadAll(context.Background())
			if err != nil {
				return fmt.Errorf("reading %s: %w", p, err)
			}
			if _, err := fmt.Fprintf(stdout, "/%s: %s\n", p, strings.TrimRight(string(out), "\n")); err != nil {
				return err
			}
		}
		return nil
	})

	return errors.Join(walkErr, svc.Stop())
}

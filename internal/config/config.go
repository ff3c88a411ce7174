package config

import (
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/alecthomas/kingpin/v2"
)

// Commands selected by ParseArgs.
const (
	CommandMount = "mount"
	CommandList  = "list"
)

// DefaultRootName is the directory holding the tree, as in /proc/fifo.
const DefaultRootName = "fifo"

// Config holds the parsed command-line configuration
type Config struct {
	// Command is CommandMount or CommandList
	Command string
	// Mountpoint is where the tree is served over FUSE (mount only)
	Mountpoint string
	// Paths are the FIFOs to monitor, --fifo-names entries first
	Paths []string
	// RootName is the directory created at the top of the mount
	RootName string
	// Capacity overrides the pipe capacity used for the full flag, 0 for the live value
	Capacity uint64
	// UID and GID own the accessor files
	UID uint32
	GID uint32
	// MetricsListen is the address of the /metrics endpoint, empty to disable
	MetricsListen string
	// FuseDebug logs every FUSE request
	FuseDebug bool
	// AllowOther lets other users see the mount
	AllowOther bool
}

// ParseArgs parses command-line arguments and returns a Config.
// args[0] is the program name.
// Expected format: program_name [flags] mount <mountpoint> [paths...]
// or program_name [flags] list [paths...]
func ParseArgs(args []string) (*Config, error) {
	return parseArgs(args, nil)
}

func parseArgs(args []string, usage io.Writer) (*Config, error) {
	if len(args) == 0 {
		return nil, errors.New("no arguments provided")
	}

	app := kingpin.New(args[0], "Exposes the reader/writer state of named pipes as a read-only file tree.")
	app.HelpFlag.Short('h')
	if usage != nil {
		app.UsageWriter(usage)
		app.ErrorWriter(usage)
		app.Terminate(nil)
	}

	cfg := &Config{}
	var fifoNames string

	app.Flag("fifo-names", "Comma separated FIFO paths to monitor").
		Envar("FIFOMON_FIFO_NAMES").StringVar(&fifoNames)
	app.Flag("root", "Name of the top level directory").
		Default(DefaultRootName).StringVar(&cfg.RootName)
	app.Flag("capacity", "Bytes at which a FIFO is reported full, 0 uses the pipe's own capacity").
		Default("0").Uint64Var(&cfg.Capacity)
	app.Flag("uid", "Owner of the accessor files").Default("0").Uint32Var(&cfg.UID)
	app.Flag("gid", "Group of the accessor files").Default("0").Uint32Var(&cfg.GID)
	app.Flag("metrics-listen", "Serve Prometheus metrics on this address, e.g. :9464").
		Envar("FIFOMON_METRICS_LISTEN").StringVar(&cfg.MetricsListen)
	app.Flag("fuse-debug", "Log every FUSE request").BoolVar(&cfg.FuseDebug)
	app.Flag("allow-other", "Allow other users to access the mount").BoolVar(&cfg.AllowOther)

	var mountPaths, listPaths []string
	mount := app.Command(CommandMount, "Serve the tree over FUSE until interrupted")
	mount.Arg("mountpoint", "Directory to mount on").Required().StringVar(&cfg.Mountpoint)
	mount.Arg("paths", "FIFO paths to monitor").StringsVar(&mountPaths)

	list := app.Command(CommandList, "Print every accessor file once and exit")
	list.Arg("paths", "FIFO paths to monitor").StringsVar(&listPaths)

	cmd, err := app.Parse(args[1:])
	if err != nil {
		return nil, err
	}
	cfg.Command = cmd

	cfg.Paths = ParseFifoNames(fifoNames)
	switch cmd {
	case CommandMount:
		cfg.Paths = append(cfg.Paths, mountPaths...)
	case CommandList:
		cfg.Paths = append(cfg.Paths, listPaths...)
	}

	if cfg.RootName == "" || strings.Contains(cfg.RootName, "/") || cfg.RootName == "." || cfg.RootName == ".." {
		return nil, fmt.Errorf("invalid --root %q: must be a single path segment", cfg.RootName)
	}

	return cfg, nil
}

// ParseFifoNames splits a comma separated list of paths, dropping empty entries.
func ParseFifoNames(s string) []string {
	var paths []string
	for _, p := range strings.Split(s, ",") {
		p = strings.TrimSpace(p)
		if p != "" {
			paths = append(paths, p)
		}
	}
	return paths
}

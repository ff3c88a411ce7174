//go:build linux

// Package monitor ties validation, the namespace tree and pipe resolution
// together into the start/stop lifecycle of the FIFO monitor.
//
// Service.Start validates each path, pins the FIFO through a Tracker and
// inserts it into the tree. Paths that fail any step are logged and skipped.
// Every accessor file renders from a fresh pipestate.Snapshot taken under the
// resolver lock:
//
//	status   0 ok, 1 full, 2 no reader (flags combine)
//	readers  open read descriptors
//	writers  open write descriptors
//	size     bytes buffered
//	mode     permission bits in octal
//
// Service.Stop tears the tree down and unpins every FIFO. A stopped service
// can be started again.
package monitor

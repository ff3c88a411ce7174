//go:build linux

// Package pipestate resolves the live state of the pipe behind a FIFO.
//
// Resolution walks four stages, each of which must be released again:
//
//	Host.Device(dev) -> Device.Store() -> Store.Inode(ino) -> Inode.Pipe()
//
// Resolver serializes every resolution and the caller's use of the pipe
// behind one mutex, and releases the stages in reverse order on every exit
// path.
//
// LinuxHost counts readers and writers from the descriptor tables in /proc
// and reads buffered bytes through a short-lived read-only descriptor. That
// descriptor is never opened on a FIFO without readers, so reading state
// does not complete a writer's blocked open(2).
package pipestate

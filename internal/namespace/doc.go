// Package namespace builds the read-only information tree that mirrors the
// filesystem paths of monitored FIFOs.
//
// The tree is kept in Node values; the entries consumers actually see are
// created through a Registrar (FUSE, or the in-memory MemRegistrar). For the
// paths /tmp/q/a and /tmp/q/b the tree under the root looks like:
//
//	fifo/
//	└── tmp/
//	    └── q/
//	        ├── a/   status readers writers size mode
//	        └── b/   status readers writers size mode
//
// Shared prefixes are merged by name, so "tmp" and "q" exist once.
//
// Teardown is post-order: a node is only removed from the registrar once
// everything below it is gone.
package namespace

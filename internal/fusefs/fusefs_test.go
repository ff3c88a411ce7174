//go:build linux

package fusefs

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"syscall"
	"testing"

	"github.com/hanwen/go-fuse/v2/fuse"
	"github.com/mrzor/fifomon/internal/fifo"
	"github.com/mrzor/fifomon/internal/namespace"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func attached(t *testing.T) (*Dir, *Registrar) {
	t.Helper()
	root := NewRoot()
	Attach(root)
	return root, NewRegistrar(root, nil)
}

func constant(s string) namespace.ReadFunc {
	return func(_ context.Context, buf []byte, off int64) (int, error) {
		if off > 0 {
			return 0, nil
		}
		return copy(buf, s), nil
	}
}

func TestRegistrar_CreateAndRemove(t *testing.T) {
	root, reg := attached(t)
	assert.Same(t, root, reg.Top())

	dir, err := reg.CreateDirectory(reg.Top(), "fifo")
	require.NoError(t, err)
	require.NotNil(t, root.GetChild("fifo"))

	_, err = reg.CreateDirectory(reg.Top(), "fifo")
	assert.ErrorIs(t, err, syscall.EEXIST)

	f, err := reg.CreateFile(dir, "readers", constant("1\n"))
	require.NoError(t, err)
	f.SetAttr(namespace.Attr{Mode: syscall.S_IFREG | 0o444, UID: 5, GID: 6})

	d := dir.(*Dir)
	require.NotNil(t, d.GetChild("readers"))
	assert.Same(t, f, d.GetChild("readers").Operations())

	_, err = reg.CreateFile(f, "nested", constant(""))
	assert.ErrorIs(t, err, syscall.ENOTDIR)
	_, err = reg.CreateFile(dir, "nil", nil)
	assert.ErrorIs(t, err, syscall.EINVAL)
	_, err = reg.CreateDirectory(dir, "a/b")
	assert.ErrorIs(t, err, syscall.EINVAL)

	assert.ErrorIs(t, reg.Remove(reg.Top(), "fifo"), syscall.ENOTEMPTY)
	assert.ErrorIs(t, reg.Remove(dir, "missing"), syscall.ENOENT)

	require.NoError(t, reg.Remove(dir, "readers"))
	require.NoError(t, reg.Remove(reg.Top(), "fifo"))
	assert.Empty(t, root.Children())
}

func TestFile_Read(t *testing.T) {
	_, reg := attached(t)
	dir, err := reg.CreateDirectory(reg.Top(), "q")
	require.NoError(t, err)
	e, err := reg.CreateFile(dir, "size", constant("123\n"))
	require.NoError(t, err)
	f := e.(*File)

	_, flags, errno := f.Open(context.Background(), syscall.O_RDONLY)
	assert.Equal(t, syscall.Errno(0), errno)
	assert.Equal(t, uint32(fuse.FOPEN_DIRECT_IO), flags&fuse.FOPEN_DIRECT_IO)

	buf := make([]byte, 4096)
	res, errno := f.Read(context.Background(), nil, buf, 0)
	require.Equal(t, syscall.Errno(0), errno)
	data, status := res.Bytes(nil)
	require.True(t, status.Ok())
	assert.Equal(t, "123\n", string(data))

	res, errno = f.Read(context.Background(), nil, buf, 4)
	require.Equal(t, syscall.Errno(0), errno)
	data, _ = res.Bytes(nil)
	assert.Empty(t, data)
}

func TestFile_ReadError(t *testing.T) {
	f := &File{read: func(context.Context, []byte, int64) (int, error) { return 0, errors.New("gone") }}
	_, errno := f.Read(context.Background(), nil, make([]byte, 16), 0)
	assert.Equal(t, syscall.EIO, errno)
}

func TestFile_OpenRejectsWriters(t *testing.T) {
	f := &File{read: constant("")}
	for _, flags := range []uint32{syscall.O_WRONLY, syscall.O_RDWR, syscall.O_RDONLY | syscall.O_TRUNC} {
		_, _, errno := f.Open(context.Background(), flags)
		assert.Equal(t, syscall.EROFS, errno, "flags %#o", flags)
	}
}

func TestGetattr(t *testing.T) {
	f := &File{}
	f.SetAttr(namespace.Attr{Mode: syscall.S_IFREG | 0o444, UID: 7, GID: 8})
	var out fuse.AttrOut
	assert.Equal(t, syscall.Errno(0), f.Getattr(context.Background(), nil, &out))
	assert.Equal(t, uint32(syscall.S_IFREG|0o444), out.Mode)
	assert.Equal(t, uint32(7), out.Uid)
	assert.Equal(t, uint32(8), out.Gid)
	assert.Zero(t, out.Size)

	d := &Dir{}
	d.SetAttr(namespace.Attr{Mode: syscall.S_IFDIR | 0o755, Size: 3})
	out = fuse.AttrOut{}
	assert.Equal(t, syscall.Errno(0), d.Getattr(context.Background(), nil, &out))
	assert.Equal(t, uint32(syscall.S_IFDIR|0o755), out.Mode)
	assert.Equal(t, uint64(3), out.Size)

	// Unset attributes fall back to read-only defaults.
	out = fuse.AttrOut{}
	(&Dir{}).Getattr(context.Background(), nil, &out)
	assert.Equal(t, uint32(syscall.S_IFDIR|0o555), out.Mode)
}

func TestTreeOverRegistrar(t *testing.T) {
	root, reg := attached(t)
	top, err := reg.CreateDirectory(reg.Top(), "fifo")
	require.NoError(t, err)

	acc := func(_ context.Context, n *namespace.Node, buf []byte, off int64) (int, error) {
		if off > 0 {
			return 0, nil
		}
		return copy(buf, n.Name()+"\n"), nil
	}
	tree, err := namespace.NewTree(reg, top, "fifo", map[string]namespace.Accessor{"status": acc, "mode": acc}, namespace.Options{})
	require.NoError(t, err)

	_, err = tree.Insert("/run/app/q", nil)
	require.Error(t, err)
	_, err = tree.Insert("/run/app/q", &fifo.Fifo{Path: "/run/app/q", ID: fifo.ID{Dev: 1, Ino: 1}})
	require.NoError(t, err)
	_, err = tree.Insert("/run/app/r", &fifo.Fifo{Path: "/run/app/r", ID: fifo.ID{Dev: 1, Ino: 2}})
	require.NoError(t, err)

	app := root.GetChild("fifo").GetChild("run").GetChild("app")
	require.NotNil(t, app)
	assert.Len(t, app.Children(), 2)
	assert.Len(t, app.GetChild("q").Children(), 2)

	status := app.GetChild("q").GetChild("status").Operations().(*File)
	res, errno := status.Read(context.Background(), nil, make([]byte, 64), 0)
	require.Equal(t, syscall.Errno(0), errno)
	data, _ := res.Bytes(nil)
	assert.Equal(t, "q\n", string(data))

	for _, child := range tree.Root().Children() {
		require.NoError(t, tree.RemoveAll(child))
	}
	require.NoError(t, tree.RemoveAll(tree.Root()))
	assert.Empty(t, root.Children())
}

func TestMount(t *testing.T) {
	if _, err := os.Stat("/dev/fuse"); err != nil {
		t.Skip("no /dev/fuse")
	}

	mnt := t.TempDir()
	root := NewRoot()
	server, err := Mount(mnt, root, MountOptions{})
	if err != nil {
		t.Skipf("cannot mount FUSE here: %v", err)
	}
	t.Cleanup(func() { _ = server.Unmount() })

	reg := NewRegistrar(root, nil)
	dir, err := reg.CreateDirectory(reg.Top(), "fifo")
	require.NoError(t, err)
	_, err = reg.CreateFile(dir, "readers", constant("4\n"))
	require.NoError(t, err)

	got, err := os.ReadFile(filepath.Join(mnt, "fifo", "readers"))
	require.NoError(t, err)
	assert.Equal(t, "4\n", string(got))

	err = os.WriteFile(filepath.Join(mnt, "fifo", "readers"), []byte("9"), 0o644)
	assert.Error(t, err)

	require.NoError(t, reg.Remove(dir, "readers"))
	_, err = os.Stat(filepath.Join(mnt, "fifo", "readers"))
	assert.True(t, os.IsNotExist(err))
}

package imagefs

import (
	"context"
	"net/http/httptest"
	"strings"
	"syscall"
	"testing"

	fusefs "github.com/hanwen/go-fuse/v2/fs"
	"github.com/hanwen/go-fuse/v2/fuse"
	"github.com/lastnameswayne/pybox/store"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testImage(t *testing.T) (*store.Store, *store.Image) {
	t.Helper()
	s, err := store.Open(t.TempDir())
	require.NoError(t, err)

	img := &store.Image{ID: "abc123", Workdir: "/app", Entrypoint: []string{"python", "task.py"}}
	for _, d := range []string{"app", "app/lib", "opt"} {
		img.Files = append(img.Files, store.Entry{Path: d, Hash: store.DirHash(d), IsDir: true, Mode: 0755})
	}
	for p, content := range map[string]string{
		"app/task.py":        "print('hi')\n",
		"app/lib/helpers.py": "x = 1\n",
	} {
		hash, err := s.PutBlob(strings.NewReader(content))
		require.NoError(t, err)
		img.Files = append(img.Files, store.Entry{Path: p, Hash: hash, Size: int64(len(content)), Mode: 0644})
	}
	img.Files = append(img.Files, store.Entry{Path: "app/main.py", Hash: store.LinkHash("task.py"), Linkname: "task.py", Mode: 0777})
	require.NoError(t, s.SaveImage(img))
	return s, img
}

func Test_DirectoryReadDir(t *testing.T) {
	t.Run("root lists top level entries", func(t *testing.T) {
		s, img := testImage(t)
		root := New(StoreSource{s}, img)

		stream, errno := root.Readdir(context.Background())
		require.Equal(t, syscall.Errno(0), errno)
		entries := collectEntries(t, stream)

		require.Len(t, entries, 2)
		assert.Equal(t, "app", entries[0].Name)
		assert.Equal(t, uint32(fuse.S_IFDIR), entries[0].Mode)
		assert.Equal(t, "opt", entries[1].Name)
	})

	t.Run("files, dirs and symlinks are typed", func(t *testing.T) {
		s, img := testImage(t)
		app := New(StoreSource{s}, img).fs.newDir("app", store.Entry{IsDir: true, Mode: 0755})

		stream, errno := app.Readdir(context.Background())
		require.Equal(t, syscall.Errno(0), errno)

		modes := map[string]uint32{}
		for _, e := range collectEntries(t, stream) {
			modes[e.Name] = e.Mode
		}
		assert.Equal(t, map[string]uint32{
			"lib":     fuse.S_IFDIR,
			"main.py": fuse.S_IFLNK,
			"task.py": fuse.S_IFREG,
		}, modes)
	})

	t.Run("empty directory returns empty stream", func(t *testing.T) {
		s, img := testImage(t)
		opt := New(StoreSource{s}, img).fs.newDir("opt", store.Entry{IsDir: true, Mode: 0755})

		stream, errno := opt.Readdir(context.Background())
		require.Equal(t, syscall.Errno(0), errno)
		assert.Empty(t, collectEntries(t, stream))
	})
}

func TestDirectoryGetattr(t *testing.T) {
	s, img := testImage(t)
	root := New(StoreSource{s}, img)

	var out fuse.AttrOut
	require.Equal(t, syscall.Errno(0), root.Getattr(context.Background(), nil, &out))
	assert.Equal(t, uint32(fuse.S_IFDIR), out.Mode&syscall.S_IFMT)
	assert.Equal(t, uint32(2), out.Nlink)
}

func TestFileOpen(t *testing.T) {
	t.Run("content is read from the store once", func(t *testing.T) {
		s, img := testImage(t)
		root := New(StoreSource{s}, img)
		e, ok := root.fs.lookup("app", "task.py")
		require.True(t, ok)

		f := &file{entry: e, fs: root.fs}
		setAttr(e, &f.attr)

		_, _, errno := f.Open(context.Background(), syscall.O_RDONLY)
		require.Equal(t, syscall.Errno(0), errno)
		_, _, errno = f.Open(context.Background(), syscall.O_RDONLY)
		require.Equal(t, syscall.Errno(0), errno)
		assert.Equal(t, int64(1), root.fs.BlobReads.Load())

		dest := make([]byte, 64)
		result, errno := f.Read(context.Background(), nil, dest, 0)
		require.Equal(t, syscall.Errno(0), errno)
		data, _ := result.Bytes(dest)
		assert.Equal(t, "print('hi')\n", string(data))

		var out fuse.AttrOut
		f.Getattr(context.Background(), nil, &out)
		assert.Equal(t, uint64(len("print('hi')\n")), out.Size)
		assert.Equal(t, uint32(fuse.S_IFREG|0644), out.Mode)
	})

	t.Run("writes are refused", func(t *testing.T) {
		s, img := testImage(t)
		f := &file{fs: New(StoreSource{s}, img).fs}
		_, _, errno := f.Open(context.Background(), syscall.O_RDWR)
		assert.Equal(t, syscall.EROFS, errno)
	})

	t.Run("a missing blob is EIO", func(t *testing.T) {
		s, img := testImage(t)
		f := &file{entry: store.Entry{Path: "gone.py", Hash: store.HashBytes([]byte("not stored"))}, fs: New(StoreSource{s}, img).fs}
		_, _, errno := f.Open(context.Background(), syscall.O_RDONLY)
		assert.Equal(t, syscall.EIO, errno)
	})
}

func TestFileRead(t *testing.T) {
	tests := []struct {
		name     string
		data     []byte
		offset   int64
		destLen  int
		expected []byte
	}{
		{
			name:     "read from start",
			data:     []byte("hello world"),
			offset:   0,
			destLen:  5,
			expected: []byte("hello"),
		},
		{
			name:     "read from middle",
			data:     []byte("hello world"),
			offset:   6,
			destLen:  5,
			expected: []byte("world"),
		},
		{
			name:     "read beyond end",
			data:     []byte("hello"),
			offset:   3,
			destLen:  10,
			expected: []byte("lo"),
		},
		{
			name:     "read beyond data",
			data:     []byte("hello"),
			offset:   10,
			destLen:  1,
			expected: []byte{},
		},
		{
			name:     "negative offset",
			data:     []byte("hello"),
			offset:   -1,
			destLen:  1,
			expected: []byte{},
		},
	}

	t.Run("nil data returns EIO", func(t *testing.T) {
		f := &file{attr: fuse.Attr{Size: 100}}
		dest := make([]byte, 100)
		_, errno := f.Read(context.Background(), nil, dest, 0)
		assert.Equal(t, syscall.EIO, errno)
	})

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := &file{Data: tt.data}
			dest := make([]byte, tt.destLen)
			result, errno := f.Read(context.Background(), nil, dest, tt.offset)
			require.Equal(t, syscall.Errno(0), errno)

			resultData, _ := result.Bytes(dest)
			assert.Equal(t, string(tt.expected), string(resultData))
		})
	}
}

// collectEntries drains a DirStream into a slice
func collectEntries(t *testing.T, stream fusefs.DirStream) []fuse.DirEntry {
	t.Helper()
	entries := []fuse.DirEntry{}
	for stream.HasNext() {
		entry, errno := stream.Next()
		require.Equal(t, syscall.Errno(0), errno)
		entries = append(entries, entry)
	}
	return entries
}

func TestRemoteSource(t *testing.T) {
	remote, img := testImage(t)
	server := httptest.NewServer(store.NewServer(remote).Handler())
	defer server.Close()

	cache, err := store.Open(t.TempDir())
	require.NoError(t, err)
	client := store.NewClient(server.URL, false)

	fetched, err := client.Image(context.Background(), img.ID)
	require.NoError(t, err)
	src := &RemoteSource{Client: client, Ref: fetched.ID, Cache: cache}

	e, ok := fetched.Entry("app/task.py")
	require.True(t, ok)

	content, err := src.Content(context.Background(), e)
	require.NoError(t, err)
	assert.Equal(t, "print('hi')\n", string(content))
	assert.True(t, cache.HasBlob(e.Hash))

	_, err = src.Content(context.Background(), e)
	require.NoError(t, err)
	assert.Equal(t, int64(1), src.ServerFetches.Load())
	assert.Equal(t, int64(1), src.DiskCacheHits.Load())

	_, err = src.Content(context.Background(), store.Entry{Path: "app/missing.py", Hash: store.HashBytes([]byte("x"))})
	assert.ErrorIs(t, err, store.ErrNotFound)
}

func TestStats(t *testing.T) {
	remote, img := testImage(t)
	server := httptest.NewServer(store.NewServer(remote).Handler())
	defer server.Close()

	cache, err := store.Open(t.TempDir())
	require.NoError(t, err)
	client := store.NewClient(server.URL, false)
	src := &RemoteSource{Client: client, Ref: img.ID, Cache: cache}

	fsys := newFS(src, img)
	e, ok := fsys.lookup("app", "task.py")
	require.True(t, ok)

	// two handles on the same file: one network fetch, then the disk cache
	for range 2 {
		f := &file{entry: e, fs: fsys}
		_, _, errno := f.Open(context.Background(), syscall.O_RDONLY)
		require.Equal(t, syscall.Errno(0), errno)
	}

	assert.Equal(t, Stats{BlobReads: 2, DiskCacheHits: 1, ServerFetches: 1}, fsys.Stats())
	assert.Equal(t, Stats{}, newFS(StoreSource{cache}, img).Stats())
}

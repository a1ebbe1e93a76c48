// Package imagefs serves a stored image as a read-only FUSE filesystem.
// File contents come from a Source on first open.
package imagefs

import (
	"context"
	"path"
	"sort"
	"sync/atomic"
	"syscall"

	fusefs "github.com/hanwen/go-fuse/v2/fs"
	"github.com/hanwen/go-fuse/v2/fuse"
	"github.com/lastnameswayne/pybox/store"
)

// FS holds the directory index of one image.
type FS struct {
	source Source
	img    *store.Image
	// parent dir -> name -> entry; the root is ""
	index  map[string]map[string]store.Entry

	BlobReads atomic.Int64
}

func newFS(src Source, img *store.Image) *FS {
	f := &FS{
		source: src,
		img:    img,
		index:  map[string]map[string]store.Entry{"": {}},
	}
	for _, e := range img.Files {
		parent := path.Dir(e.Path)
		if parent == "." {
			parent = ""
		}
		if f.index[parent] == nil {
			f.index[parent] = map[string]store.Entry{}
		}
		f.index[parent][path.Base(e.Path)] = e
	}
	return f
}

// New returns the root directory node for img.
func New(src Source, img *store.Image) *Directory {
	fs := newFS(src, img)
	return fs.newDir("", store.Entry{IsDir: true, Mode: 0755})
}

func (fs *FS) newDir(p string, e store.Entry) *Directory {
	return &Directory{
		path:     p,
		fs:       fs,
		entry:    e,
		children: map[string]*Directory{},
	}
}

func (fs *FS) list(dir string) []store.Entry {
	entries := make([]store.Entry, 0, len(fs.index[dir]))
	for _, e := range fs.index[dir] {
		entries = append(entries, e)
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].Path < entries[j].Path })
	return entries
}

func (fs *FS) lookup(dir, name string) (store.Entry, bool) {
	e, ok := fs.index[dir][name]
	return e, ok
}

var _ = (fusefs.NodeStatfser)((*Directory)(nil))

func (d *Directory) Statfs(ctx context.Context, out *fuse.StatfsOut) syscall.Errno {
	*out = fuse.StatfsOut{
		Bsize:  4096,
		Blocks: 1 << 30,
		Bavail: 0,
		Bfree:  0,
	}
	return 0
}

// Stats counts file opens and, for a RemoteSource, where their bytes came from.
type Stats struct {
	BlobReads     int64
	DiskCacheHits int64
	ServerFetches int64
}

func (fs *FS) Stats() Stats {
	st := Stats{BlobReads: fs.BlobReads.Load()}
	if r, ok := fs.source.(*RemoteSource); ok {
		st.DiskCacheHits = r.DiskCacheHits.Load()
		st.ServerFetches = r.ServerFetches.Load()
	}
	return st
}

// Mount serves img at dir until the returned server is unmounted. The FS
// keeps counting reads while mounted.
func Mount(dir string, src Source, img *store.Image, debug bool) (*fuse.Server, *FS, error) {
	opts := &fusefs.Options{}
	opts.Debug = debug
	opts.FsName = "pybox"
	opts.Name = "pybox"

	fs := newFS(src, img)
	root := fs.newDir("", store.Entry{IsDir: true, Mode: 0755})
	server, err := fusefs.Mount(dir, root, opts)
	if err != nil {
		return nil, nil, err
	}
	return server, fs, nil
}

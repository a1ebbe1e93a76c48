package imagefs

import (
	"context"
	"path"
	"syscall"

	fusefs "github.com/hanwen/go-fuse/v2/fs"
	"github.com/hanwen/go-fuse/v2/fuse"
	"github.com/lastnameswayne/pybox/store"
)

// Directory represents a directory of the image
type Directory struct {
	fusefs.Inode
	path     string
	entry    store.Entry
	fs       *FS
	children map[string]*Directory // directory name to object
}

var _ = (fusefs.NodeReaddirer)((*Directory)(nil))
var _ = (fusefs.NodeLookuper)((*Directory)(nil))
var _ = (fusefs.NodeGetattrer)((*Directory)(nil))

func fileType(e store.Entry) uint32 {
	switch {
	case e.IsDir:
		return fuse.S_IFDIR
	case e.Linkname != "":
		return fuse.S_IFLNK
	default:
		return fuse.S_IFREG
	}
}

// Readdir lists the contents of the directory
func (d *Directory) Readdir(ctx context.Context) (fusefs.DirStream, syscall.Errno) {
	out := []fuse.DirEntry{}
	for _, e := range d.fs.list(d.path) {
		out = append(out, fuse.DirEntry{
			Name: path.Base(e.Path),
			Mode: fileType(e),
		})
	}
	return fusefs.NewListDirStream(out), 0
}

func (d *Directory) Lookup(ctx context.Context, name string, out *fuse.EntryOut) (*fusefs.Inode, syscall.Errno) {
	if childDir, found := d.children[name]; found {
		return &childDir.Inode, 0
	}

	e, ok := d.fs.lookup(d.path, name)
	if !ok {
		return nil, syscall.ENOENT
	}
	setAttr(e, &out.Attr)

	switch {
	case e.IsDir:
		return d.addDirChild(ctx, name, e), 0
	case e.Linkname != "":
		link := &fusefs.MemSymlink{Data: []byte(e.Linkname)}
		link.Attr.Mode = fuse.S_IFLNK | 0777
		return d.NewInode(ctx, link, fusefs.StableAttr{Mode: fuse.S_IFLNK}), 0
	default:
		f := &file{entry: e, fs: d.fs}
		setAttr(e, &f.attr)
		return d.NewInode(ctx, f, fusefs.StableAttr{Mode: fuse.S_IFREG}), 0
	}
}

func (d *Directory) Getattr(ctx context.Context, f fusefs.FileHandle, out *fuse.AttrOut) syscall.Errno {
	setAttr(d.entry, &out.Attr)
	out.Nlink = 2
	return 0
}

func (d *Directory) addDirChild(ctx context.Context, name string, e store.Entry) *fusefs.Inode {
	newDir := d.fs.newDir(e.Path, e)
	node := d.NewPersistentInode(ctx, newDir, fusefs.StableAttr{Mode: syscall.S_IFDIR})
	d.AddChild(name, node, false)
	d.children[name] = newDir
	return node
}

func setAttr(e store.Entry, attr *fuse.Attr) {
	attr.Mode = fileType(e) | uint32(e.Mode&0777)
	attr.Size = uint64(e.Size)
	attr.Mtime = uint64(e.ModTime)
	attr.Atime = attr.Mtime
	attr.Ctime = attr.Mtime
	attr.Nlink = 1
	if e.IsDir {
		attr.Mode = fuse.S_IFDIR | uint32(e.Mode&0777) | 0500
		attr.Size = 0
	}
}

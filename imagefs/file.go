package imagefs

import (
	"context"
	"log"
	"sync"
	"syscall"

	fusefs "github.com/hanwen/go-fuse/v2/fs"
	"github.com/hanwen/go-fuse/v2/fuse"
	"github.com/lastnameswayne/pybox/store"
)

// file represents a file of the image, loaded from the source on first open
type file struct {
	fusefs.Inode
	mu    sync.Mutex
	Data  []byte
	attr  fuse.Attr
	entry store.Entry
	fs    *FS
}

var _ = (fusefs.NodeReader)((*file)(nil))
var _ = (fusefs.NodeOpener)((*file)(nil))
var _ = (fusefs.NodeGetattrer)((*file)(nil))

func (f *file) Read(ctx context.Context, fh fusefs.FileHandle, dest []byte, offset int64) (fuse.ReadResult, syscall.Errno) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.Data == nil {
		log.Printf("READ called with nil Data, path=%s size=%d", f.entry.Path, f.attr.Size)
		return fuse.ReadResultData(nil), syscall.EIO
	}
	if offset < 0 || int(offset) >= len(f.Data) {
		return fuse.ReadResultData(nil), 0
	}
	end := int(offset) + len(dest)
	end = min(end, len(f.Data))
	return fuse.ReadResultData(f.Data[offset:end]), 0
}

func (f *file) Getattr(ctx context.Context, fh fusefs.FileHandle, out *fuse.AttrOut) syscall.Errno {
	out.Attr = f.attr
	out.Nlink = 1
	const bs = 512
	out.Blksize = bs
	out.Blocks = (out.Size + bs - 1) / bs
	return 0
}

func (f *file) Open(ctx context.Context, flags uint32) (fusefs.FileHandle, uint32, syscall.Errno) {
	if flags&(syscall.O_WRONLY|syscall.O_RDWR) != 0 {
		return nil, 0, syscall.EROFS
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	if f.Data != nil {
		return f, fuse.FOPEN_KEEP_CACHE, 0
	}

	content, err := f.fs.source.Content(ctx, f.entry)
	if err != nil {
		log.Printf("Error reading %s: %v", f.entry.Path, err)
		return nil, 0, syscall.EIO
	}
	f.fs.BlobReads.Add(1)
	f.Data = content
	return f, fuse.FOPEN_KEEP_CACHE, 0
}

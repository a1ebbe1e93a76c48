package imagefs

import (
	"bytes"
	"context"
	"fmt"
	"sync/atomic"

	"github.com/lastnameswayne/pybox/store"
)

// Source supplies file contents for the filesystem.
type Source interface {
	Content(ctx context.Context, e store.Entry) ([]byte, error)
}

// StoreSource reads blobs from a local store.
type StoreSource struct {
	Store *store.Store
}

func (s StoreSource) Content(ctx context.Context, e store.Entry) ([]byte, error) {
	return s.Store.ReadBlob(e.Hash)
}

// RemoteSource fetches files of a pushed image from a store server and keeps
// them in a local store, so each blob crosses the network once.
type RemoteSource struct {
	Client *store.Client
	Ref    string
	Cache  *store.Store

	DiskCacheHits atomic.Int64
	ServerFetches atomic.Int64
}

func (r *RemoteSource) Content(ctx context.Context, e store.Entry) ([]byte, error) {
	if r.Cache.HasBlob(e.Hash) {
		r.DiskCacheHits.Add(1)
		return r.Cache.ReadBlob(e.Hash)
	}

	kv, err := r.Client.Fetch(ctx, r.Ref, e.Path)
	if err != nil {
		return nil, err
	}
	r.ServerFetches.Add(1)

	hash, err := r.Cache.PutBlob(bytes.NewReader(kv.Value))
	if err != nil {
		return nil, err
	}
	if hash != e.Hash {
		return nil, fmt.Errorf("%s: hash mismatch: got %s, want %s", e.Path, hash, e.Hash)
	}
	return kv.Value, nil
}

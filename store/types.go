package store

import "time"

// Entry is one path in an image filesystem.
type Entry struct {
	Path     string `json:"path"` // relative to the image root, slash separated
	Hash     string `json:"hash"`
	IsDir    bool   `json:"is_dir"`
	Size     int64  `json:"size"`
	Mode     int64  `json:"mode"`
	ModTime  int64  `json:"mod_time"`
	Linkname string `json:"linkname,omitempty"`
}

// Image is an immutable filesystem snapshot plus the metadata needed to run it.
type Image struct {
	ID         string            `json:"id"`
	Tag        string            `json:"tag,omitempty"`
	Base       string            `json:"base"`
	Workdir    string            `json:"workdir"`
	Env        map[string]string `json:"env,omitempty"`
	Entrypoint []string          `json:"entrypoint"`
	Created    time.Time         `json:"created"`
	Files      []Entry           `json:"files"`
}

// Entry looks a path up in the image.
func (img *Image) Entry(p string) (Entry, bool) {
	for _, e := range img.Files {
		if e.Path == p {
			return e, true
		}
	}
	return Entry{}, false
}

// KeyValue is the wire form of an entry with its content, as served by /fetch.
type KeyValue struct {
	Key       string `json:"key"`
	Value     []byte `json:"value"`
	HashValue string `json:"hash_value"`
	Parent    string `json:"parent"`
	Name      string `json:"name"`
	IsDir     bool   `json:"is_dir"`
	Size      int64  `json:"size"`
	Mode      int64  `json:"mode"`
	ModTime   int64  `json:"mod_time"`
	Linkname  string `json:"linkname,omitempty"`
}

// ListEntry is a lightweight entry for directory listings (no file content)
type ListEntry struct {
	Key       string `json:"key"`
	HashValue string `json:"hash_value"`
	Name      string `json:"name"`
	IsDir     bool   `json:"is_dir"`
	Size      int64  `json:"size"`
	Mode      int64  `json:"mode"`
}

// SyncEntry is metadata sent to server for sync comparison
type SyncEntry struct {
	Key  string `json:"key"`
	Hash string `json:"hash"`
}

// SyncResponse contains keys that need uploading
type SyncResponse struct {
	NeedUpload []string `json:"need_upload"`
}

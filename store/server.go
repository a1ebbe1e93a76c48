package store

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"net/http"
	"path"
	"strings"
	"sync"
)

// Server exposes a store over HTTP so workers can fetch image files lazily
// and clients can push images.
type Server struct {
	store *Store
	mutex *sync.Mutex
	index map[string]*imageIndex // image id to index
}

type imageIndex struct {
	keydir           map[string]Entry               // path to entry
	knownDirectories map[string]map[string]struct{} // directory to child paths
}

func NewServer(s *Store) *Server {
	return &Server{
		store: s,
		mutex: &sync.Mutex{},
		index: map[string]*imageIndex{},
	}
}

func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/fetch", s.handleGet)
	mux.HandleFunc("/list", s.handleList)
	mux.HandleFunc("/sync", s.handleSync)
	mux.HandleFunc("/batch-upload", s.handleSetBatch)
	mux.HandleFunc("/images", s.handleImages)
	mux.HandleFunc("/images/", s.handleGetImage)
	return mux
}

func newImageIndex(img *Image) *imageIndex {
	idx := &imageIndex{
		keydir:           map[string]Entry{},
		knownDirectories: map[string]map[string]struct{}{},
	}
	for _, e := range img.Files {
		idx.keydir[e.Path] = e
		parent := path.Dir(e.Path)
		if _, ok := idx.knownDirectories[parent]; !ok {
			idx.knownDirectories[parent] = map[string]struct{}{}
		}
		idx.knownDirectories[parent][e.Path] = struct{}{}
	}
	return idx
}

func (s *Server) imageIndex(ref string) (*Image, *imageIndex, error) {
	img, err := s.store.Image(ref)
	if err != nil {
		return nil, nil, err
	}

	s.mutex.Lock()
	defer s.mutex.Unlock()
	idx, ok := s.index[img.ID]
	if !ok {
		idx = newImageIndex(img)
		s.index[img.ID] = idx
	}
	return img, idx, nil
}

func cleanKey(key string) string {
	key = strings.Trim(key, "/")
	if key == "" {
		return "."
	}
	return path.Clean(key)
}

func (s *Server) handleGet(w http.ResponseWriter, r *http.Request) {
	ref := r.URL.Query().Get("image")
	key := r.URL.Query().Get("filepath")

	if ref == "" {
		http.Error(w, "image is required", http.StatusBadRequest)
		return
	}
	if key == "" {
		http.Error(w, "filepath is required", http.StatusBadRequest)
		return
	}

	_, idx, err := s.imageIndex(ref)
	if err != nil {
		writeStoreError(w, err)
		return
	}

	isDirRequest := strings.HasSuffix(key, "/")
	if isDirRequest {
		dir := cleanKey(key)
		children, ok := idx.knownDirectories[dir]
		if !ok {
			http.Error(w, "Directory not found", http.StatusNotFound)
			return
		}

		entries := []KeyValue{}
		for child := range children {
			kv, err := s.keyValue(idx.keydir[child], false)
			if err != nil {
				continue
			}
			entries = append(entries, kv)
		}
		writeJSON(w, entries)
		return
	}

	entry, ok := idx.keydir[cleanKey(key)]
	if !ok {
		http.Error(w, "Not found", http.StatusNotFound)
		return
	}

	kv, err := s.keyValue(entry, true)
	if err != nil {
		http.Error(w, "Error reading file", http.StatusInternalServerError)
		return
	}
	writeJSON(w, kv)
}

func (s *Server) keyValue(e Entry, withContent bool) (KeyValue, error) {
	kv := KeyValue{
		Key:       e.Path,
		HashValue: e.Hash,
		Parent:    path.Dir(e.Path),
		Name:      path.Base(e.Path),
		IsDir:     e.IsDir,
		Size:      e.Size,
		Mode:      e.Mode,
		ModTime:   e.ModTime,
		Linkname:  e.Linkname,
	}
	if withContent && !e.IsDir && e.Linkname == "" {
		content, err := s.store.ReadBlob(e.Hash)
		if err != nil {
			return KeyValue{}, err
		}
		kv.Value = content
	}
	return kv, nil
}

// handleList returns directory entries WITHOUT file content (Value field)
func (s *Server) handleList(w http.ResponseWriter, r *http.Request) {
	ref := r.URL.Query().Get("image")
	dir := r.URL.Query().Get("dir")
	if ref == "" || dir == "" {
		http.Error(w, "image and dir are required", http.StatusBadRequest)
		return
	}

	_, idx, err := s.imageIndex(ref)
	if err != nil {
		writeStoreError(w, err)
		return
	}

	children, ok := idx.knownDirectories[cleanKey(dir)]
	if !ok {
		http.Error(w, "Directory not found", http.StatusNotFound)
		return
	}

	entries := make([]ListEntry, 0, len(children))
	for child := range children {
		e := idx.keydir[child]
		entries = append(entries, ListEntry{
			Key:       e.Path,
			HashValue: e.Hash,
			Name:      path.Base(e.Path),
			IsDir:     e.IsDir,
			Size:      e.Size,
			Mode:      e.Mode,
		})
	}
	writeJSON(w, entries)
}

// handleSync answers which of the offered blobs the store is missing.
func (s *Server) handleSync(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	var entries []SyncEntry
	if err := json.NewDecoder(r.Body).Decode(&entries); err != nil {
		http.Error(w, "Invalid JSON: "+err.Error(), http.StatusBadRequest)
		return
	}

	resp := SyncResponse{NeedUpload: []string{}}
	for _, e := range entries {
		if !s.store.HasBlob(e.Hash) {
			resp.NeedUpload = append(resp.NeedUpload, e.Key)
		}
	}
	writeJSON(w, resp)
}

func (s *Server) handleSetBatch(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPut {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	var entries []KeyValue
	if err := json.NewDecoder(r.Body).Decode(&entries); err != nil {
		http.Error(w, "Invalid JSON: "+err.Error(), http.StatusBadRequest)
		return
	}

	stored := 0
	for _, entry := range entries {
		if entry.IsDir || entry.Linkname != "" {
			continue
		}
		hash, err := s.store.PutBlob(bytes.NewReader(entry.Value))
		if err != nil {
			http.Error(w, "Error storing file: "+err.Error(), http.StatusInternalServerError)
			return
		}
		if entry.HashValue != "" && entry.HashValue != hash {
			http.Error(w, fmt.Sprintf("hash mismatch for %s", entry.Key), http.StatusBadRequest)
			return
		}
		stored++
	}

	log.Printf("stored %d files", stored)
	fmt.Fprintf(w, "Stored %d files\n", stored)
}

func (s *Server) handleImages(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		images, err := s.store.Images()
		if err != nil {
			writeStoreError(w, err)
			return
		}
		writeJSON(w, images)
	case http.MethodPut:
		img := &Image{}
		if err := json.NewDecoder(r.Body).Decode(img); err != nil {
			http.Error(w, "Invalid JSON: "+err.Error(), http.StatusBadRequest)
			return
		}
		if img.ID == "" {
			http.Error(w, "id is required", http.StatusBadRequest)
			return
		}
		if err := s.store.SaveImage(img); err != nil {
			writeStoreError(w, err)
			return
		}
		log.Printf("stored image %s (%d files)", img.ID, len(img.Files))
		w.WriteHeader(http.StatusCreated)
	default:
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
	}
}

func (s *Server) handleGetImage(w http.ResponseWriter, r *http.Request) {
	ref := strings.TrimPrefix(r.URL.Path, "/images/")
	if ref == "" {
		http.Error(w, "image is required", http.StatusBadRequest)
		return
	}
	img, err := s.store.Image(ref)
	if err != nil {
		writeStoreError(w, err)
		return
	}
	writeJSON(w, img)
}

func writeStoreError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, ErrNotFound):
		http.Error(w, "Not found", http.StatusNotFound)
	case errors.Is(err, ErrMissingBlob):
		http.Error(w, err.Error(), http.StatusBadRequest)
	case errors.Is(err, ErrAmbiguous):
		http.Error(w, err.Error(), http.StatusConflict)
	default:
		http.Error(w, err.Error(), http.StatusInternalServerError)
	}
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(v)
}

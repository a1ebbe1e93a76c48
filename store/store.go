package store

import (
	"crypto/sha1"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
)

var (
	ErrNotFound    = errors.New("not found")
	ErrAmbiguous   = errors.New("ambiguous image reference")
	ErrMissingBlob = errors.New("missing blob")
)

const (
	blobsDir  = "blobs"
	imagesDir = "images"
	tagsFile  = "tags.json"
)

// Store keeps blobs content-addressed by sha1 and image records by id.
type Store struct {
	dir   string
	mutex *sync.Mutex
	tags  map[string]string // tag to image id
}

func Open(dir string) (*Store, error) {
	for _, d := range []string{dir, filepath.Join(dir, blobsDir), filepath.Join(dir, imagesDir)} {
		if err := os.MkdirAll(d, 0755); err != nil {
			return nil, err
		}
	}

	s := &Store{
		dir:   dir,
		mutex: &sync.Mutex{},
		tags:  map[string]string{},
	}

	data, err := os.ReadFile(filepath.Join(dir, tagsFile))
	if err != nil && !os.IsNotExist(err) {
		return nil, err
	}
	if len(data) > 0 {
		if err := json.Unmarshal(data, &s.tags); err != nil {
			return nil, fmt.Errorf("read tags: %w", err)
		}
	}
	return s, nil
}

func (s *Store) Dir() string {
	return s.dir
}

func HashBytes(b []byte) string {
	h := sha1.New()
	h.Write(b)
	return hex.EncodeToString(h.Sum(nil))
}

// DirHash includes the key so directories get unique hashes.
func DirHash(key string) string {
	return HashBytes([]byte(key))
}

func LinkHash(target string) string {
	return HashBytes([]byte("link:" + target))
}

func (s *Store) blobPath(hash string) string {
	return filepath.Join(s.dir, blobsDir, hash)
}

// PutBlob stores r and returns its hash. Storing existing content is a no-op.
func (s *Store) PutBlob(r io.Reader) (string, error) {
	tmp, err := os.CreateTemp(filepath.Join(s.dir, blobsDir), ".incoming-*")
	if err != nil {
		return "", err
	}
	defer os.Remove(tmp.Name())

	h := sha1.New()
	if _, err := io.Copy(io.MultiWriter(tmp, h), r); err != nil {
		tmp.Close()
		return "", err
	}
	if err := tmp.Close(); err != nil {
		return "", err
	}

	hash := hex.EncodeToString(h.Sum(nil))
	if s.HasBlob(hash) {
		return hash, nil
	}
	if err := os.Rename(tmp.Name(), s.blobPath(hash)); err != nil {
		return "", err
	}
	return hash, nil
}

// PutFile stores the content of a file on disk.
func (s *Store) PutFile(p string) (string, error) {
	f, err := os.Open(p)
	if err != nil {
		return "", err
	}
	defer f.Close()
	return s.PutBlob(f)
}

func (s *Store) HasBlob(hash string) bool {
	_, err := os.Stat(s.blobPath(hash))
	return err == nil
}

func (s *Store) Blob(hash string) (io.ReadCloser, error) {
	if !validHash(hash) {
		return nil, fmt.Errorf("blob %q: %w", hash, ErrNotFound)
	}
	f, err := os.Open(s.blobPath(hash))
	if os.IsNotExist(err) {
		return nil, fmt.Errorf("blob %s: %w", hash, ErrNotFound)
	}
	return f, err
}

func (s *Store) ReadBlob(hash string) ([]byte, error) {
	rc, err := s.Blob(hash)
	if err != nil {
		return nil, err
	}
	defer rc.Close()
	return io.ReadAll(rc)
}

func validHash(hash string) bool {
	if len(hash) != sha1.Size*2 {
		return false
	}
	_, err := hex.DecodeString(hash)
	return err == nil
}

// SaveImage writes the image record and, if set, its tag.
// Every file blob must already be in the store.
func (s *Store) SaveImage(img *Image) error {
	for _, e := range img.Files {
		if e.IsDir || e.Linkname != "" {
			continue
		}
		if !s.HasBlob(e.Hash) {
			return fmt.Errorf("image %s: %s: %w", img.ID, e.Path, ErrMissingBlob)
		}
	}

	data, err := json.MarshalIndent(img, "", "  ")
	if err != nil {
		return err
	}

	s.mutex.Lock()
	defer s.mutex.Unlock()

	if err := writeFileAtomic(filepath.Join(s.dir, imagesDir, img.ID+".json"), data); err != nil {
		return err
	}
	if img.Tag != "" {
		s.tags[img.Tag] = img.ID
		return s.writeTags()
	}
	return nil
}

func (s *Store) Tag(tag, ref string) error {
	img, err := s.Image(ref)
	if err != nil {
		return err
	}

	s.mutex.Lock()
	defer s.mutex.Unlock()
	s.tags[tag] = img.ID
	return s.writeTags()
}

// Image resolves a tag, a full id, or a unique id prefix.
func (s *Store) Image(ref string) (*Image, error) {
	id, err := s.resolve(ref)
	if err != nil {
		return nil, err
	}

	data, err := os.ReadFile(filepath.Join(s.dir, imagesDir, id+".json"))
	if os.IsNotExist(err) {
		return nil, fmt.Errorf("image %s: %w", ref, ErrNotFound)
	}
	if err != nil {
		return nil, err
	}

	img := &Image{}
	if err := json.Unmarshal(data, img); err != nil {
		return nil, fmt.Errorf("image %s: %w", ref, err)
	}
	return img, nil
}

func (s *Store) resolve(ref string) (string, error) {
	s.mutex.Lock()
	id, ok := s.tags[ref]
	s.mutex.Unlock()
	if ok {
		return id, nil
	}

	ids, err := s.ids()
	if err != nil {
		return "", err
	}
	matches := []string{}
	for _, id := range ids {
		if id == ref {
			return id, nil
		}
		if ref != "" && strings.HasPrefix(id, ref) {
			matches = append(matches, id)
		}
	}
	switch len(matches) {
	case 0:
		return "", fmt.Errorf("image %s: %w", ref, ErrNotFound)
	case 1:
		return matches[0], nil
	default:
		return "", fmt.Errorf("%s: %w", ref, ErrAmbiguous)
	}
}

func (s *Store) ids() ([]string, error) {
	entries, err := os.ReadDir(filepath.Join(s.dir, imagesDir))
	if err != nil {
		return nil, err
	}
	ids := []string{}
	for _, e := range entries {
		if id, ok := strings.CutSuffix(e.Name(), ".json"); ok {
			ids = append(ids, id)
		}
	}
	return ids, nil
}

// Images lists every stored image, newest first.
func (s *Store) Images() ([]*Image, error) {
	ids, err := s.ids()
	if err != nil {
		return nil, err
	}
	images := make([]*Image, 0, len(ids))
	for _, id := range ids {
		img, err := s.Image(id)
		if err != nil {
			return nil, err
		}
		images = append(images, img)
	}
	sort.Slice(images, func(i, j int) bool {
		return images[i].Created.After(images[j].Created)
	})
	return images, nil
}

// Tags returns the tags pointing at id.
func (s *Store) Tags(id string) []string {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	tags := []string{}
	for tag, tagged := range s.tags {
		if tagged == id {
			tags = append(tags, tag)
		}
	}
	sort.Strings(tags)
	return tags
}

// Remove deletes the image record and its tags. Blobs stay; they may be shared.
func (s *Store) Remove(ref string) error {
	img, err := s.Image(ref)
	if err != nil {
		return err
	}

	s.mutex.Lock()
	defer s.mutex.Unlock()
	for tag, id := range s.tags {
		if id == img.ID {
			delete(s.tags, tag)
		}
	}
	if err := s.writeTags(); err != nil {
		return err
	}
	return os.Remove(filepath.Join(s.dir, imagesDir, img.ID+".json"))
}

// caller holds the mutex
func (s *Store) writeTags() error {
	data, err := json.MarshalIndent(s.tags, "", "  ")
	if err != nil {
		return err
	}
	return writeFileAtomic(filepath.Join(s.dir, tagsFile), data)
}

func writeFileAtomic(p string, data []byte) error {
	tmp := p + ".tmp"
	if err := os.WriteFile(tmp, data, 0644); err != nil {
		return err
	}
	return os.Rename(tmp, p)
}

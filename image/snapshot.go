package image

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path"
	"path/filepath"
	"sort"
	"strings"

	"github.com/lastnameswayne/pybox/store"
	"golang.org/x/sync/errgroup"
)

// rootPath maps an absolute image path onto the staging rootfs.
func rootPath(rootfs, imagePath string) string {
	return filepath.Join(rootfs, filepath.FromSlash(strings.TrimPrefix(path.Clean("/"+imagePath), "/")))
}

// safePath maps imagePath onto root like rootPath, but refuses it when any
// existing parent directory below root is a symlink. The final component is
// left to the caller, which replaces it rather than writing through it.
func safePath(root, imagePath string) (string, error) {
	clean := strings.TrimPrefix(path.Clean("/"+imagePath), "/")
	if clean == "" {
		return root, nil
	}
	parts := strings.Split(clean, "/")
	cur := root
	for _, part := range parts[:len(parts)-1] {
		cur = filepath.Join(cur, part)
		info, err := os.Lstat(cur)
		if errors.Is(err, fs.ErrNotExist) {
			break
		}
		if err != nil {
			return "", err
		}
		if info.Mode()&os.ModeSymlink != 0 {
			return "", fmt.Errorf("%w: %s", ErrUnsafePath, imagePath)
		}
	}
	return filepath.Join(root, filepath.FromSlash(clean)), nil
}

// mkdirReplace creates dir, replacing a symlink or file already at that path.
func mkdirReplace(dir string) error {
	if info, err := os.Lstat(dir); err == nil && !info.IsDir() {
		if err := os.Remove(dir); err != nil {
			return err
		}
	}
	return os.MkdirAll(dir, 0755)
}

// copyTree copies src (file, dir or symlink) to dest verbatim.
func copyTree(src, dest string) error {
	info, err := os.Lstat(src)
	if err != nil {
		return err
	}

	if !info.IsDir() {
		if err := os.MkdirAll(filepath.Dir(dest), 0755); err != nil {
			return err
		}
		return copyEntry(src, dest, info)
	}

	return filepath.WalkDir(src, func(p string, d os.DirEntry, err error) error {
		if err != nil {
			return err
		}
		rel, err := filepath.Rel(src, p)
		if err != nil {
			return err
		}
		info, err := d.Info()
		if err != nil {
			return err
		}
		return copyEntry(p, filepath.Join(dest, rel), info)
	})
}

func copyEntry(src, dest string, info os.FileInfo) error {
	switch {
	case info.IsDir():
		if err := os.MkdirAll(dest, 0755); err != nil {
			return err
		}
		return os.Chmod(dest, info.Mode().Perm())
	case info.Mode()&os.ModeSymlink != 0:
		link, err := os.Readlink(src)
		if err != nil {
			return err
		}
		os.Remove(dest)
		return os.Symlink(link, dest)
	case info.Mode().IsRegular():
		return copyFile(src, dest, info.Mode().Perm())
	default:
		// sockets, devices and fifos have no place in an image
		return nil
	}
}

func copyFile(src, dest string, mode os.FileMode) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()

	out, err := os.OpenFile(dest, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, mode)
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, in); err != nil {
		out.Close()
		return err
	}
	if err := out.Close(); err != nil {
		return err
	}
	return os.Chmod(dest, mode)
}

type walkedEntry struct {
	store.Entry
	localPath string
}

// walkRootfs walks a directory and returns entries with localPath set.
// No file content is loaded into memory.
func walkRootfs(dir string) ([]walkedEntry, error) {
	result := []walkedEntry{}
	err := filepath.Walk(dir, func(p string, info os.FileInfo, err error) error {
		if err != nil {
			return err
		}
		relPath, err := filepath.Rel(dir, p)
		if err != nil {
			return err
		}
		if relPath == "." {
			return nil
		}
		key := filepath.ToSlash(relPath)

		e := walkedEntry{Entry: store.Entry{
			Path:    key,
			IsDir:   info.IsDir(),
			Size:    info.Size(),
			Mode:    int64(info.Mode().Perm()),
			ModTime: info.ModTime().Unix(),
		}}
		switch {
		case info.IsDir():
			e.Size = 0
			e.Hash = store.DirHash(key)
		case info.Mode()&os.ModeSymlink != 0:
			link, err := os.Readlink(p)
			if err != nil {
				return err
			}
			e.Linkname = link
			e.Size = 0
			e.Hash = store.LinkHash(link)
		case info.Mode().IsRegular():
			e.localPath = p
		default:
			return nil
		}
		result = append(result, e)
		return nil
	})
	return result, err
}

// commitRootfs stores every file of dir as a blob and returns the entries, sorted by path.
func commitRootfs(ctx context.Context, s *store.Store, dir string) ([]store.Entry, error) {
	walked, err := walkRootfs(dir)
	if err != nil {
		return nil, err
	}

	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(8)
	for i := range walked {
		if walked[i].localPath == "" {
			continue
		}
		g.Go(func() error {
			if err := ctx.Err(); err != nil {
				return err
			}
			hash, err := s.PutFile(walked[i].localPath)
			if err != nil {
				return fmt.Errorf("store %s: %w", walked[i].Path, err)
			}
			walked[i].Hash = hash
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	entries := make([]store.Entry, len(walked))
	for i, w := range walked {
		entries[i] = w.Entry
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].Path < entries[j].Path })
	return entries, nil
}

// Materialize writes the image filesystem below dir.
func Materialize(ctx context.Context, s *store.Store, img *store.Image, dir string) error {
	// parents before children so directory modes can be applied afterwards
	files := append([]store.Entry(nil), img.Files...)
	sort.Slice(files, func(i, j int) bool { return files[i].Path < files[j].Path })

	dirs := []store.Entry{}
	for _, e := range files {
		if err := ctx.Err(); err != nil {
			return err
		}
		target, err := safePath(dir, e.Path)
		if err != nil {
			return err
		}
		if err := os.MkdirAll(filepath.Dir(target), 0755); err != nil {
			return err
		}

		switch {
		case e.IsDir:
			if err := mkdirReplace(target); err != nil {
				return err
			}
			dirs = append(dirs, e)
		case e.Linkname != "":
			os.Remove(target)
			if err := os.Symlink(e.Linkname, target); err != nil {
				return err
			}
		default:
			os.Remove(target)
			if err := writeBlob(s, e, target); err != nil {
				return err
			}
		}
	}

	for _, e := range dirs {
		target := rootPath(dir, e.Path)
		if info, err := os.Lstat(target); err != nil || !info.IsDir() {
			continue
		}
		if err := os.Chmod(target, os.FileMode(e.Mode)|0700); err != nil {
			return err
		}
	}
	return nil
}

func writeBlob(s *store.Store, e store.Entry, target string) error {
	rc, err := s.Blob(e.Hash)
	if err != nil {
		return fmt.Errorf("%s: %w", e.Path, err)
	}
	defer rc.Close()

	out, err := os.OpenFile(target, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, os.FileMode(e.Mode))
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, rc); err != nil {
		out.Close()
		return err
	}
	if err := out.Close(); err != nil {
		return err
	}
	return os.Chmod(target, os.FileMode(e.Mode))
}

// List returns the image paths below dir, relative to it, sorted.
func List(img *store.Image, dir string) []string {
	prefix := strings.Trim(path.Clean("/"+dir), "/")
	out := []string{}
	for _, e := range img.Files {
		rel := e.Path
		if prefix != "" {
			var ok bool
			rel, ok = strings.CutPrefix(e.Path, prefix+"/")
			if !ok {
				continue
			}
		}
		out = append(out, rel)
	}
	sort.Strings(out)
	return out
}

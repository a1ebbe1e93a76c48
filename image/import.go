package image

import (
	"archive/tar"
	"bufio"
	"compress/gzip"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"os"
	"path"
	"path/filepath"
	"strings"
	"time"

	"github.com/lastnameswayne/pybox/store"
)

const whiteoutPrefix = ".wh."
const opaqueWhiteout = ".wh..wh..opq"

// Manifest is one entry of manifest.json in a `docker save` tarball.
type Manifest struct {
	Config   string   `json:"Config"`
	RepoTags []string `json:"RepoTags"`
	Layers   []string `json:"Layers"`
}

type imageConfig struct {
	Config struct {
		Env        []string `json:"Env"`
		WorkingDir string   `json:"WorkingDir"`
		Entrypoint []string `json:"Entrypoint"`
		Cmd        []string `json:"Cmd"`
	} `json:"config"`
}

// Import reads a `docker save` tarball and stores it as an image, usable as a build base.
func Import(ctx context.Context, s *store.Store, tarfile, tag string) (*store.Image, error) {
	tempDir, err := os.MkdirTemp("", "pybox-import-")
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrImport, err)
	}
	defer os.RemoveAll(tempDir)

	f, err := os.Open(tarfile)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrImport, err)
	}
	err = extractTar(f, tempDir)
	f.Close()
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrImport, err)
	}

	manifestData, err := os.ReadFile(filepath.Join(tempDir, "manifest.json"))
	if err != nil {
		return nil, fmt.Errorf("%w: read manifest: %w", ErrImport, err)
	}
	var manifests []Manifest
	if err := json.Unmarshal(manifestData, &manifests); err != nil {
		return nil, fmt.Errorf("%w: cannot unmarshal manifest: %w", ErrImport, err)
	}
	if len(manifests) == 0 {
		return nil, fmt.Errorf("%w: empty manifest.json in tarball", ErrImport)
	}
	m := manifests[0]

	rootfs := filepath.Join(tempDir, "rootfs")
	if err := os.MkdirAll(rootfs, 0755); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrImport, err)
	}
	for _, layer := range m.Layers {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		if err := applyLayerFile(rootPath(tempDir, layer), rootfs); err != nil {
			return nil, fmt.Errorf("%w: layer %s: %w", ErrImport, layer, err)
		}
	}

	files, err := commitRootfs(ctx, s, rootfs)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrImport, err)
	}

	img := &store.Image{
		Tag:     tag,
		Base:    strings.Join(m.RepoTags, ","),
		Workdir: "/",
		Env:     map[string]string{},
		Created: time.Now().UTC(),
		Files:   files,
	}
	if m.Config != "" {
		if err := applyConfig(rootPath(tempDir, m.Config), img); err != nil {
			return nil, fmt.Errorf("%w: config: %w", ErrImport, err)
		}
	}
	img.ID = ID(img)

	if err := s.SaveImage(img); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrImport, err)
	}
	log.Printf("imported %s as %s (%d layers, %d files)", tarfile, ShortID(img.ID), len(m.Layers), len(files))
	return img, nil
}

func applyConfig(p string, img *store.Image) error {
	data, err := os.ReadFile(p)
	if err != nil {
		return err
	}
	var cfg imageConfig
	if err := json.Unmarshal(data, &cfg); err != nil {
		return err
	}
	for _, kv := range cfg.Config.Env {
		if k, v, ok := strings.Cut(kv, "="); ok {
			img.Env[k] = v
		}
	}
	if cfg.Config.WorkingDir != "" {
		img.Workdir = cfg.Config.WorkingDir
	}
	img.Entrypoint = append(append([]string{}, cfg.Config.Entrypoint...), cfg.Config.Cmd...)
	return nil
}

// extractTar unpacks the outer tarball: manifest, config and layer files.
func extractTar(r io.Reader, dstDir string) error {
	reader := tar.NewReader(r)
	for {
		header, err := reader.Next()
		if err == io.EOF {
			return nil
		}
		if err != nil {
			return fmt.Errorf("error reading tar: %w", err)
		}

		target, err := safePath(dstDir, header.Name)
		if err != nil {
			return err
		}
		switch header.Typeflag {
		case tar.TypeDir:
			if err := mkdirReplace(target); err != nil {
				return err
			}
		case tar.TypeReg:
			os.Remove(target)
			if err := writeReader(reader, target, 0644); err != nil {
				return err
			}
		case tar.TypeSymlink:
			// OCI layouts link layer paths into blobs/
			link := header.Linkname
			if !path.IsAbs(link) {
				link = path.Join(path.Dir(header.Name), link)
			}
			os.MkdirAll(filepath.Dir(target), 0755)
			os.Remove(target)
			if err := os.Symlink(rootPath(dstDir, link), target); err != nil {
				return err
			}
		}
	}
}

func applyLayerFile(p, rootfs string) error {
	f, err := os.Open(p)
	if err != nil {
		return err
	}
	defer f.Close()

	br := bufio.NewReader(f)
	var r io.Reader = br
	if magic, err := br.Peek(2); err == nil && magic[0] == 0x1f && magic[1] == 0x8b {
		gz, err := gzip.NewReader(br)
		if err != nil {
			return err
		}
		defer gz.Close()
		r = gz
	}
	return applyLayer(r, rootfs)
}

// applyLayer unpacks one filesystem layer on top of rootfs, honoring whiteouts.
// No entry is written through a symlink, whether it came from a lower layer
// or from this one.
func applyLayer(r io.Reader, rootfs string) error {
	// image paths this layer has put down, so an opaque whiteout keeps them
	written := map[string]bool{}

	reader := tar.NewReader(r)
	for {
		header, err := reader.Next()
		if err == io.EOF {
			return nil
		}
		if err != nil {
			return fmt.Errorf("error reading tar: %w", err)
		}

		name := path.Clean("/" + header.Name)
		base := path.Base(name)
		target, err := safePath(rootfs, name)
		if err != nil {
			return err
		}

		if base == opaqueWhiteout {
			if err := clearDir(filepath.Dir(target), path.Dir(name), written); err != nil {
				return err
			}
			continue
		}
		if strings.HasPrefix(base, whiteoutPrefix) {
			hidden := filepath.Join(filepath.Dir(target), strings.TrimPrefix(base, whiteoutPrefix))
			if err := os.RemoveAll(hidden); err != nil {
				return err
			}
			continue
		}

		if err := os.MkdirAll(filepath.Dir(target), 0755); err != nil {
			return fmt.Errorf("mkdir error: %w", err)
		}

		switch header.Typeflag {
		case tar.TypeDir:
			if err := mkdirReplace(target); err != nil {
				return fmt.Errorf("mkdir error: %w", err)
			}
			os.Chmod(target, os.FileMode(header.Mode).Perm()|0700)
		case tar.TypeReg:
			os.RemoveAll(target)
			if err := writeReader(reader, target, os.FileMode(header.Mode).Perm()); err != nil {
				return err
			}
		case tar.TypeSymlink:
			os.RemoveAll(target)
			if err := os.Symlink(header.Linkname, target); err != nil {
				return err
			}
		case tar.TypeLink:
			os.RemoveAll(target)
			if err := linkWithin(rootfs, header.Linkname, target); err != nil {
				return fmt.Errorf("hard link %s: %w", header.Name, err)
			}
		default:
			// devices and fifos are not carried into images
			continue
		}
		written[name] = true
	}
}

// linkWithin materializes a hard link by copying its source. A source that is
// itself a symlink is copied as a symlink.
func linkWithin(rootfs, linkname, target string) error {
	src, err := safePath(rootfs, linkname)
	if err != nil {
		return err
	}
	info, err := os.Lstat(src)
	if err != nil {
		return err
	}
	if info.Mode()&os.ModeSymlink != 0 {
		link, err := os.Readlink(src)
		if err != nil {
			return err
		}
		return os.Symlink(link, target)
	}
	return copyFile(src, target, info.Mode().Perm())
}

func writeReader(r io.Reader, target string, mode os.FileMode) error {
	if err := os.MkdirAll(filepath.Dir(target), 0755); err != nil {
		return err
	}
	out, err := os.OpenFile(target, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, mode)
	if err != nil {
		return fmt.Errorf("create file error: %w", err)
	}
	if _, err := io.Copy(out, r); err != nil {
		out.Close()
		return fmt.Errorf("copy file error: %w", err)
	}
	return out.Close()
}

// clearDir empties dir for an opaque whiteout. Entries in written came from
// the current layer and survive. Directories this layer wrote to are cleared
// recursively instead of removed.
func clearDir(dir, name string, written map[string]bool) error {
	entries, err := os.ReadDir(dir)
	if os.IsNotExist(err) {
		return nil
	}
	if err != nil {
		return err
	}
	for _, e := range entries {
		child := path.Join(name, e.Name())
		full := filepath.Join(dir, e.Name())
		switch {
		case e.IsDir() && (written[child] || hasWrittenBelow(written, child)):
			if err := clearDir(full, child, written); err != nil {
				return err
			}
		case written[child]:
		default:
			if err := os.RemoveAll(full); err != nil {
				return err
			}
		}
	}
	return nil
}

func hasWrittenBelow(written map[string]bool, dir string) bool {
	for p := range written {
		if strings.HasPrefix(p, dir+"/") {
			return true
		}
	}
	return false
}

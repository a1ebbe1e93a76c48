package image

import (
	"context"
	"crypto/sha1"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"log"
	"os"
	"path"
	"path/filepath"
	"time"

	"github.com/lastnameswayne/pybox/recipe"
	"github.com/lastnameswayne/pybox/store"
)

// SitePackages is where dependencies are installed inside every image.
const SitePackages = "/opt/site-packages"

// Options controls a build.
type Options struct {
	Context   string         // build context directory, root for copy sources
	Recipe    *recipe.Recipe // what to build
	Tag       string
	Store     *store.Store
	Installer Installer
	Logf      func(format string, args ...any)
}

// Build runs the build step: copy the context in, install the manifest, commit.
// On any failure nothing is written to the store.
func Build(ctx context.Context, opts Options) (*store.Image, error) {
	logf := opts.Logf
	if logf == nil {
		logf = func(string, ...any) {}
	}
	rec := opts.Recipe

	staging, err := os.MkdirTemp("", "pybox-build-")
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrBuild, err)
	}
	defer os.RemoveAll(staging)

	rootfs := filepath.Join(staging, "rootfs")
	if err := os.MkdirAll(rootfs, 0755); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrBuild, err)
	}

	if base, err := opts.Store.Image(rec.Base); err == nil {
		logf("using base image %s (%d files)\n", rec.Base, len(base.Files))
		if err := Materialize(ctx, opts.Store, base, rootfs); err != nil {
			return nil, fmt.Errorf("%w: base %s: %w", ErrBuild, rec.Base, err)
		}
	} else if !errors.Is(err, store.ErrNotFound) {
		return nil, fmt.Errorf("%w: %w", ErrBuild, err)
	}

	if err := os.MkdirAll(rootPath(rootfs, rec.Workdir), 0755); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrBuild, err)
	}

	for _, c := range rec.Copies {
		src := filepath.Join(opts.Context, filepath.FromSlash(c.Src))
		logf("copy %s -> %s\n", c.Src, c.Dest)
		if err := copyTree(src, rootPath(rootfs, c.Dest)); err != nil {
			return nil, fmt.Errorf("%w: %w: %s: %w", ErrBuild, ErrCopy, c.Src, err)
		}
	}

	if err := install(ctx, opts, rootfs, logf); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrBuild, err)
	}

	files, err := commitRootfs(ctx, opts.Store, rootfs)
	if err != nil {
		return nil, fmt.Errorf("%w: commit: %w", ErrBuild, err)
	}

	img := &store.Image{
		Tag:        opts.Tag,
		Base:       rec.Base,
		Workdir:    rec.Workdir,
		Env:        rec.Env,
		Entrypoint: rec.Entrypoint,
		Created:    time.Now().UTC(),
		Files:      files,
	}
	img.ID = ID(img)

	if err := opts.Store.SaveImage(img); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrBuild, err)
	}
	log.Printf("built image %s (%d files)", ShortID(img.ID), len(img.Files))
	return img, nil
}

func install(ctx context.Context, opts Options, rootfs string, logf func(string, ...any)) error {
	manifestPath := opts.Recipe.ManifestPath()
	if manifestPath == "" {
		return nil
	}

	manifest := rootPath(rootfs, manifestPath)
	reqs, err := recipe.ParseManifestFile(manifest)
	if errors.Is(err, fs.ErrNotExist) {
		logf("no dependency manifest at %s\n", manifestPath)
		return nil
	}
	if err != nil {
		return fmt.Errorf("%w: %s: %w", ErrInstall, manifestPath, err)
	}
	if len(reqs) == 0 {
		return nil
	}
	if opts.Installer == nil {
		return fmt.Errorf("%w: no installer configured", ErrInstall)
	}

	target := rootPath(rootfs, SitePackages)
	if err := os.MkdirAll(target, 0755); err != nil {
		return err
	}

	logf("installing %d packages from %s\n", len(reqs), manifestPath)
	if err := opts.Installer.Install(ctx, manifest, target); err != nil {
		return fmt.Errorf("%w: %w", ErrInstall, err)
	}
	return nil
}

// ID content-addresses the image: the same metadata and files give the same id.
func ID(img *store.Image) string {
	h := sha1.New()
	json.NewEncoder(h).Encode(struct {
		Base       string
		Workdir    string
		Env        map[string]string
		Entrypoint []string
		Files      []store.Entry
	}{img.Base, img.Workdir, img.Env, img.Entrypoint, img.Files})
	return hex.EncodeToString(h.Sum(nil))
}

func ShortID(id string) string {
	if len(id) > 12 {
		return id[:12]
	}
	return id
}

// SitePackagesPath is the host path of the dependency dir inside a materialized rootfs.
func SitePackagesPath(rootfs string) string {
	return rootPath(rootfs, SitePackages)
}

// HostPath maps an absolute image path onto a materialized rootfs.
func HostPath(rootfs, imagePath string) string {
	return rootPath(rootfs, path.Clean(imagePath))
}

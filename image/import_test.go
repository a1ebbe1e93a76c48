package image

import (
	"archive/tar"
	"bytes"
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/lastnameswayne/pybox/store"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type tarFile struct {
	name     string
	content  string
	typeflag byte
	linkname string
}

func tarBytes(t *testing.T, files []tarFile) []byte {
	t.Helper()
	var buf bytes.Buffer
	tw := tar.NewWriter(&buf)
	for _, f := range files {
		hdr := &tar.Header{Name: f.name, Typeflag: f.typeflag, Linkname: f.linkname, Mode: 0644}
		switch f.typeflag {
		case tar.TypeDir:
			hdr.Mode = 0755
		case tar.TypeReg:
			hdr.Size = int64(len(f.content))
		}
		require.NoError(t, tw.WriteHeader(hdr))
		if f.typeflag == tar.TypeReg {
			_, err := tw.Write([]byte(f.content))
			require.NoError(t, err)
		}
	}
	require.NoError(t, tw.Close())
	return buf.Bytes()
}

// dockerSave writes a two-layer tarball in `docker save` layout.
func dockerSave(t *testing.T) string {
	t.Helper()
	layer1 := tarBytes(t, []tarFile{
		{name: "usr/", typeflag: tar.TypeDir},
		{name: "usr/bin/", typeflag: tar.TypeDir},
		{name: "usr/bin/python3", content: "#!/bin/sh\n", typeflag: tar.TypeReg},
		{name: "usr/bin/python", typeflag: tar.TypeSymlink, linkname: "python3"},
		{name: "etc/", typeflag: tar.TypeDir},
		{name: "etc/motd", content: "welcome\n", typeflag: tar.TypeReg},
		{name: "tmp/", typeflag: tar.TypeDir},
		{name: "tmp/a", content: "a", typeflag: tar.TypeReg},
	})
	layer2 := tarBytes(t, []tarFile{
		{name: "etc/.wh.motd", typeflag: tar.TypeReg},
		{name: "tmp/.wh..wh..opq", typeflag: tar.TypeReg},
		{name: "etc/hostname", content: "box\n", typeflag: tar.TypeReg},
	})

	config, err := json.Marshal(map[string]any{
		"config": map[string]any{
			"Env":        []string{"PATH=/usr/bin", "LANG=C.UTF-8"},
			"WorkingDir": "/",
			"Cmd":        []string{"python3"},
		},
	})
	require.NoError(t, err)
	manifest, err := json.Marshal([]Manifest{{
		Config:   "config.json",
		RepoTags: []string{"python:3-slim"},
		Layers:   []string{"l1/layer.tar", "l2/layer.tar"},
	}})
	require.NoError(t, err)

	outer := tarBytes(t, []tarFile{
		{name: "manifest.json", content: string(manifest), typeflag: tar.TypeReg},
		{name: "config.json", content: string(config), typeflag: tar.TypeReg},
		{name: "l1/", typeflag: tar.TypeDir},
		{name: "l1/layer.tar", content: string(layer1), typeflag: tar.TypeReg},
		{name: "l2/", typeflag: tar.TypeDir},
		{name: "l2/layer.tar", content: string(layer2), typeflag: tar.TypeReg},
	})
	p := filepath.Join(t.TempDir(), "python.tar")
	require.NoError(t, os.WriteFile(p, outer, 0644))
	return p
}

func TestImport(t *testing.T) {
	s, err := store.Open(t.TempDir())
	require.NoError(t, err)

	img, err := Import(context.Background(), s, dockerSave(t), "python:3-slim")
	require.NoError(t, err)

	assert.Equal(t, "python:3-slim", img.Tag)
	assert.Equal(t, "C.UTF-8", img.Env["LANG"])
	assert.Equal(t, []string{"python3"}, img.Entrypoint)

	_, ok := img.Entry("usr/bin/python3")
	assert.True(t, ok)
	link, ok := img.Entry("usr/bin/python")
	require.True(t, ok)
	assert.Equal(t, "python3", link.Linkname)

	_, ok = img.Entry("etc/motd")
	assert.False(t, ok, "whiteout removes the file")
	_, ok = img.Entry("etc/hostname")
	assert.True(t, ok)
	assert.Empty(t, List(img, "/tmp"), "opaque whiteout clears the directory")

	stored, err := s.Image("python:3-slim")
	require.NoError(t, err)
	assert.Equal(t, img.ID, stored.ID)
}

func TestImportRejectsTarWithoutManifest(t *testing.T) {
	s, err := store.Open(t.TempDir())
	require.NoError(t, err)

	p := filepath.Join(t.TempDir(), "empty.tar")
	require.NoError(t, os.WriteFile(p, tarBytes(t, []tarFile{{name: "hello.txt", content: "hi", typeflag: tar.TypeReg}}), 0644))

	_, err = Import(context.Background(), s, p, "broken")
	assert.ErrorIs(t, err, ErrImport)
	images, err := s.Images()
	require.NoError(t, err)
	assert.Empty(t, images)
}

// saveLayer wraps a single layer in `docker save` layout.
func saveLayer(t *testing.T, layer []byte) string {
	t.Helper()
	manifest, err := json.Marshal([]Manifest{{RepoTags: []string{"layered:latest"}, Layers: []string{"l1/layer.tar"}}})
	require.NoError(t, err)
	outer := tarBytes(t, []tarFile{
		{name: "manifest.json", content: string(manifest), typeflag: tar.TypeReg},
		{name: "l1/layer.tar", content: string(layer), typeflag: tar.TypeReg},
	})
	p := filepath.Join(t.TempDir(), "layered.tar")
	require.NoError(t, os.WriteFile(p, outer, 0644))
	return p
}

func TestImportRefusesWritesThroughSymlinks(t *testing.T) {
	t.Run("an absolute symlink from the same layer", func(t *testing.T) {
		s, err := store.Open(t.TempDir())
		require.NoError(t, err)
		outside := t.TempDir()

		p := saveLayer(t, tarBytes(t, []tarFile{
			{name: "escape", typeflag: tar.TypeSymlink, linkname: outside},
			{name: "escape/pwned", content: "owned\n", typeflag: tar.TypeReg},
		}))

		_, err = Import(context.Background(), s, p, "escape")
		assert.ErrorIs(t, err, ErrImport)
		assert.ErrorIs(t, err, ErrUnsafePath)

		entries, err := os.ReadDir(outside)
		require.NoError(t, err)
		assert.Empty(t, entries)
		images, err := s.Images()
		require.NoError(t, err)
		assert.Empty(t, images)
	})

	t.Run("a relative symlink climbing out of the root", func(t *testing.T) {
		rootfs := t.TempDir()
		layer := tarBytes(t, []tarFile{
			{name: "up", typeflag: tar.TypeSymlink, linkname: "../../.."},
			{name: "up/tmp/pwned", content: "owned\n", typeflag: tar.TypeReg},
		})
		err := applyLayer(bytes.NewReader(layer), rootfs)
		assert.ErrorIs(t, err, ErrUnsafePath)
	})

	t.Run("a symlink from a lower layer", func(t *testing.T) {
		rootfs := t.TempDir()
		outside := t.TempDir()
		require.NoError(t, applyLayer(bytes.NewReader(tarBytes(t, []tarFile{
			{name: "lib", typeflag: tar.TypeSymlink, linkname: outside},
		})), rootfs))

		err := applyLayer(bytes.NewReader(tarBytes(t, []tarFile{
			{name: "lib/.wh..wh..opq", typeflag: tar.TypeReg},
		})), rootfs)
		assert.ErrorIs(t, err, ErrUnsafePath)

		err = applyLayer(bytes.NewReader(tarBytes(t, []tarFile{
			{name: "lib/evil.so", content: "x", typeflag: tar.TypeReg},
		})), rootfs)
		assert.ErrorIs(t, err, ErrUnsafePath)

		entries, err := os.ReadDir(outside)
		require.NoError(t, err)
		assert.Empty(t, entries)
	})

	t.Run("a symlink replaced by a directory is written into the root", func(t *testing.T) {
		rootfs := t.TempDir()
		outside := t.TempDir()
		layer := tarBytes(t, []tarFile{
			{name: "data", typeflag: tar.TypeSymlink, linkname: outside},
			{name: "data/", typeflag: tar.TypeDir},
			{name: "data/file", content: "inside", typeflag: tar.TypeReg},
		})
		require.NoError(t, applyLayer(bytes.NewReader(layer), rootfs))

		content, err := os.ReadFile(filepath.Join(rootfs, "data", "file"))
		require.NoError(t, err)
		assert.Equal(t, "inside", string(content))
		entries, err := os.ReadDir(outside)
		require.NoError(t, err)
		assert.Empty(t, entries)
	})
}

func TestApplyLayerOpaqueWhiteout(t *testing.T) {
	rootfs := t.TempDir()
	require.NoError(t, applyLayer(bytes.NewReader(tarBytes(t, []tarFile{
		{name: "app/", typeflag: tar.TypeDir},
		{name: "app/old.py", content: "old", typeflag: tar.TypeReg},
		{name: "app/pkg/", typeflag: tar.TypeDir},
		{name: "app/pkg/stale.py", content: "stale", typeflag: tar.TypeReg},
	})), rootfs))

	// the whiteout comes after entries of its own layer
	require.NoError(t, applyLayer(bytes.NewReader(tarBytes(t, []tarFile{
		{name: "app/new.py", content: "new", typeflag: tar.TypeReg},
		{name: "app/pkg/fresh.py", content: "fresh", typeflag: tar.TypeReg},
		{name: "app/.wh..wh..opq", typeflag: tar.TypeReg},
		{name: "app/later.py", content: "later", typeflag: tar.TypeReg},
	})), rootfs))

	assert.Equal(t, []string{"app", "app/later.py", "app/new.py", "app/pkg", "app/pkg/fresh.py"}, listTree(t, rootfs))
}

func TestApplyLayerHardLinks(t *testing.T) {
	rootfs := t.TempDir()
	layer := tarBytes(t, []tarFile{
		{name: "bin/", typeflag: tar.TypeDir},
		{name: "bin/python3.12", content: "#!/bin/sh\n", typeflag: tar.TypeReg},
		{name: "bin/python3", typeflag: tar.TypeLink, linkname: "bin/python3.12"},
		{name: "bin/py", typeflag: tar.TypeSymlink, linkname: "python3"},
		{name: "bin/py-again", typeflag: tar.TypeLink, linkname: "bin/py"},
	})
	require.NoError(t, applyLayer(bytes.NewReader(layer), rootfs))

	content, err := os.ReadFile(filepath.Join(rootfs, "bin", "python3"))
	require.NoError(t, err)
	assert.Equal(t, "#!/bin/sh\n", string(content))

	link, err := os.Readlink(filepath.Join(rootfs, "bin", "py-again"))
	require.NoError(t, err)
	assert.Equal(t, "python3", link)
}

func TestMaterializeRefusesWritesThroughSymlinks(t *testing.T) {
	s, err := store.Open(t.TempDir())
	require.NoError(t, err)
	outside := t.TempDir()

	hash, err := s.PutBlob(strings.NewReader("owned\n"))
	require.NoError(t, err)
	img := &store.Image{Files: []store.Entry{
		{Path: "escape", Linkname: outside, Hash: store.LinkHash(outside)},
		{Path: "escape/pwned", Hash: hash, Size: 6, Mode: 0644},
	}}

	err = Materialize(context.Background(), s, img, t.TempDir())
	assert.ErrorIs(t, err, ErrUnsafePath)

	entries, err := os.ReadDir(outside)
	require.NoError(t, err)
	assert.Empty(t, entries)
}

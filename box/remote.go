package main

import (
	"fmt"
	"log"
	"net/http"
	"time"

	"github.com/briandowns/spinner"
	"github.com/lastnameswayne/pybox/image"
	"github.com/lastnameswayne/pybox/imagefs"
	"github.com/lastnameswayne/pybox/store"
	"github.com/urfave/cli/v2"
)

func importCommand() *cli.Command {
	return &cli.Command{
		Name:      "import",
		Usage:     "import a `docker save` tarball as a base image",
		ArgsUsage: "<tarball>",
		Flags: []cli.Flag{
			&cli.StringFlag{Name: "tag", Aliases: []string{"t"}, Usage: "name for the image, e.g. python:3-slim"},
		},
		Action: func(ctx *cli.Context) error {
			if ctx.NArg() < 1 {
				return cli.Exit("a tarball is required", 1)
			}
			s, err := openStore(ctx)
			if err != nil {
				return err
			}

			sp := spinner.New(spinner.CharSets[14], 100*time.Millisecond)
			sp.Suffix = " Importing tarball..."
			sp.Start()
			img, err := image.Import(ctx.Context, s, ctx.Args().First(), ctx.String("tag"))
			sp.Stop()
			if err != nil {
				fmt.Printf("%s %v\n", red("✗"), err)
				return cli.Exit("", 1)
			}
			fmt.Printf("%s Imported %s (%d files)\n", green("✓"), image.ShortID(img.ID), len(img.Files))
			return nil
		},
	}
}

func serveCommand() *cli.Command {
	return &cli.Command{
		Name:  "serve",
		Usage: "serve the store over HTTP for push and fetch",
		Flags: []cli.Flag{
			&cli.StringFlag{Name: "addr", Value: ":8443", EnvVars: []string{"PYBOX_ADDR"}},
			&cli.StringFlag{Name: "tls-cert", Usage: "certificate file; serves plain HTTP when empty"},
			&cli.StringFlag{Name: "tls-key", Usage: "key file"},
		},
		Action: func(ctx *cli.Context) error {
			s, err := openStore(ctx)
			if err != nil {
				return err
			}
			server := &http.Server{
				Addr:    ctx.String("addr"),
				Handler: store.NewServer(s).Handler(),
			}
			if cert := ctx.String("tls-cert"); cert != "" {
				log.Printf("Starting server on https://localhost%s", server.Addr)
				return server.ListenAndServeTLS(cert, ctx.String("tls-key"))
			}
			log.Printf("Starting server on http://localhost%s", server.Addr)
			return server.ListenAndServe()
		},
	}
}

func pushCommand() *cli.Command {
	return &cli.Command{
		Name:      "push",
		Usage:     "upload an image to a store server",
		ArgsUsage: "<image>",
		Flags: []cli.Flag{
			&cli.StringFlag{Name: "server", Value: "https://localhost:8443", EnvVars: []string{"PYBOX_SERVER"}},
			&cli.BoolFlag{Name: "insecure", Usage: "skip TLS verification"},
		},
		Action: func(ctx *cli.Context) error {
			if ctx.NArg() < 1 {
				return cli.Exit("an image is required", 1)
			}
			s, err := openStore(ctx)
			if err != nil {
				return err
			}
			img, err := s.Image(ctx.Args().First())
			if err != nil {
				return err
			}

			sp := spinner.New(spinner.CharSets[14], 100*time.Millisecond)
			sp.Suffix = " Syncing with server..."
			sp.Start()
			client := store.NewClient(ctx.String("server"), ctx.Bool("insecure"))
			err = client.Push(ctx.Context, s, img, func(sent, total int) {
				sp.Lock()
				sp.Suffix = fmt.Sprintf(" Uploading files %d/%d...", sent, total)
				sp.Unlock()
			})
			sp.Stop()
			if err != nil {
				fmt.Printf("%s Push failed: %v\n", red("✗"), err)
				return cli.Exit("", 1)
			}
			fmt.Printf("%s Pushed %s to %s\n", green("✓"), image.ShortID(img.ID), ctx.String("server"))
			return nil
		},
	}
}

func mountCommand() *cli.Command {
	return &cli.Command{
		Name:      "mount",
		Usage:     "mount an image read-only with FUSE until unmounted",
		ArgsUsage: "<image> <dir>",
		Flags: []cli.Flag{
			&cli.StringFlag{Name: "server", Usage: "fetch files lazily from this store server", EnvVars: []string{"PYBOX_SERVER"}},
			&cli.BoolFlag{Name: "insecure", Usage: "skip TLS verification"},
			&cli.BoolFlag{Name: "debug", Usage: "log FUSE requests"},
		},
		Action: func(ctx *cli.Context) error {
			if ctx.NArg() < 2 {
				return cli.Exit("an image and a mountpoint are required", 1)
			}
			ref, mountpoint := ctx.Args().First(), ctx.Args().Get(1)
			s, err := openStore(ctx)
			if err != nil {
				return err
			}

			var src imagefs.Source = imagefs.StoreSource{Store: s}
			var img *store.Image
			if server := ctx.String("server"); server != "" {
				client := store.NewClient(server, ctx.Bool("insecure"))
				img, err = client.Image(ctx.Context, ref)
				if err != nil {
					return err
				}
				// fetched blobs land in the local store
				src = &imagefs.RemoteSource{Client: client, Ref: img.ID, Cache: s}
			} else {
				img, err = s.Image(ref)
				if err != nil {
					return err
				}
			}

			fuseServer, fsys, err := imagefs.Mount(mountpoint, src, img, ctx.Bool("debug"))
			if err != nil {
				return fmt.Errorf("mount fail: %w", err)
			}
			fmt.Printf("%s Mounted %s at %s\n", green("✓"), image.ShortID(img.ID), mountpoint)
			fuseServer.Wait()

			st := fsys.Stats()
			fmt.Printf("%s Unmounted %s: %d files read, %d from disk cache, %d from server\n",
				green("✓"), mountpoint, st.BlobReads, st.DiskCacheHits, st.ServerFetches)
			return nil
		},
	}
}

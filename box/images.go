package main

import (
	"fmt"
	"os"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/lastnameswayne/pybox/image"
	"github.com/urfave/cli/v2"
)

func imagesCommand() *cli.Command {
	return &cli.Command{
		Name:  "images",
		Usage: "list stored images",
		Action: func(ctx *cli.Context) error {
			s, err := openStore(ctx)
			if err != nil {
				return err
			}
			images, err := s.Images()
			if err != nil {
				return err
			}

			w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
			fmt.Fprintln(w, "IMAGE ID\tTAGS\tBASE\tFILES\tCREATED")
			for _, img := range images {
				fmt.Fprintf(w, "%s\t%s\t%s\t%d\t%s\n",
					image.ShortID(img.ID),
					strings.Join(s.Tags(img.ID), ","),
					img.Base,
					len(img.Files),
					img.Created.Local().Format(time.DateTime))
			}
			return w.Flush()
		},
	}
}

func lsCommand() *cli.Command {
	return &cli.Command{
		Name:      "ls",
		Usage:     "list the files of an image below a directory",
		ArgsUsage: "<image> [dir]",
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
			dir := ctx.Args().Get(1)
			if dir == "" {
				dir = img.Workdir
			}
			for _, p := range image.List(img, dir) {
				fmt.Println(p)
			}
			return nil
		},
	}
}

func rmCommand() *cli.Command {
	return &cli.Command{
		Name:      "rm",
		Usage:     "remove an image",
		ArgsUsage: "<image>",
		Action: func(ctx *cli.Context) error {
			if ctx.NArg() < 1 {
				return cli.Exit("an image is required", 1)
			}
			s, err := openStore(ctx)
			if err != nil {
				return err
			}
			if err := s.Remove(ctx.Args().First()); err != nil {
				fmt.Printf("%s %v\n", red("✗"), err)
				return cli.Exit("", 1)
			}
			fmt.Printf("%s Removed %s\n", green("✓"), ctx.Args().First())
			return nil
		},
	}
}

func historyCommand() *cli.Command {
	return &cli.Command{
		Name:  "history",
		Usage: "show past builds and runs",
		Flags: []cli.Flag{
			&cli.BoolFlag{Name: "builds", Usage: "show builds instead of runs"},
		},
		Action: func(ctx *cli.Context) error {
			history := openHistory(ctx)
			if history == nil {
				return cli.Exit("no history available", 1)
			}
			defer history.Close()

			w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
			if ctx.Bool("builds") {
				builds, err := history.Builds()
				if err != nil {
					return err
				}
				fmt.Fprintln(w, "ID\tIMAGE\tTAG\tSTARTED\tDURATION\tRESULT")
				for _, b := range builds {
					result := green("✓")
					if b.Error != "" {
						result = red("✗ " + b.Error)
					}
					fmt.Fprintf(w, "%d\t%s\t%s\t%s\t%dms\t%s\n",
						b.ID, image.ShortID(b.ImageID), b.Tag,
						b.StartedAt.Local().Format(time.DateTime), b.DurationMs, result)
				}
				return w.Flush()
			}

			runs, err := history.Runs()
			if err != nil {
				return err
			}
			fmt.Fprintln(w, "ID\tIMAGE\tCOMMAND\tRUNTIME\tSTARTED\tDURATION\tEXIT")
			for _, r := range runs {
				fmt.Fprintf(w, "%d\t%s\t%s\t%s\t%s\t%dms\t%d\n",
					r.ID, image.ShortID(r.ImageID), r.Entrypoint, r.Runtime,
					r.StartedAt.Local().Format(time.DateTime), r.DurationMs, r.ExitCode)
			}
			return w.Flush()
		},
	}
}

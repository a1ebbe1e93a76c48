package main

import (
	"fmt"
	"log"
	"os"
	"path/filepath"

	"github.com/adrg/xdg"
	"github.com/fatih/color"
	"github.com/lastnameswayne/pybox/db"
	"github.com/lastnameswayne/pybox/store"
	"github.com/urfave/cli/v2"
)

// Verbose controls logging output
var Verbose bool

func logf(format string, args ...any) {
	if Verbose {
		fmt.Printf(format, args...)
	}
}

func logln(args ...any) {
	if Verbose {
		fmt.Println(args...)
	}
}

var (
	green = color.New(color.FgGreen).SprintFunc()
	red   = color.New(color.FgRed).SprintFunc()
)

func defaultStoreDir() string {
	return filepath.Join(xdg.DataHome, "pybox")
}

func openStore(ctx *cli.Context) (*store.Store, error) {
	dir := ctx.String("store")
	logln("using store", dir)
	return store.Open(dir)
}

// openHistory opens the run and build log kept next to the store. History is
// best effort: a failure is logged and nil returned.
func openHistory(ctx *cli.Context) *db.DB {
	history, err := db.Open(filepath.Join(ctx.String("store"), "history.db"))
	if err != nil {
		log.Printf("Warning: failed to open history database: %v", err)
		return nil
	}
	return history
}

func newApp() *cli.App {
	return &cli.App{
		Name:  "box",
		Usage: "build and run single-script python images",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "store",
				Usage:   "image store directory",
				Value:   defaultStoreDir(),
				EnvVars: []string{"PYBOX_STORE"},
			},
			&cli.BoolFlag{
				Name:    "verbose",
				Aliases: []string{"v"},
				Usage:   "print build and run details",
			},
		},
		Before: func(ctx *cli.Context) error {
			Verbose = ctx.Bool("verbose")
			return nil
		},
		Commands: []*cli.Command{
			buildCommand(),
			runCommand(),
			imagesCommand(),
			lsCommand(),
			importCommand(),
			rmCommand(),
			serveCommand(),
			pushCommand(),
			mountCommand(),
			historyCommand(),
		},
	}
}

func main() {
	if err := newApp().Run(os.Args); err != nil {
		log.Fatal(err)
	}
}

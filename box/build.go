package main

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"time"

	"github.com/briandowns/spinner"
	"github.com/lastnameswayne/pybox/db"
	"github.com/lastnameswayne/pybox/image"
	"github.com/lastnameswayne/pybox/recipe"
	"github.com/urfave/cli/v2"
)

func buildCommand() *cli.Command {
	return &cli.Command{
		Name:      "build",
		Usage:     "build an image from a directory",
		ArgsUsage: "[context]",
		Flags: []cli.Flag{
			&cli.StringFlag{Name: "file", Aliases: []string{"f"}, Usage: "descriptor path (default <context>/Dockerfile)"},
			&cli.StringFlag{Name: "tag", Aliases: []string{"t"}, Usage: "name for the image"},
			&cli.StringFlag{Name: "script", Value: "task.py", Usage: "entry script when there is no descriptor"},
			&cli.StringFlag{Name: "python", Value: "python3", Usage: "interpreter used to run pip", EnvVars: []string{"PYBOX_PYTHON"}},
			&cli.StringSliceFlag{Name: "find-links", Usage: "local wheel directory"},
			&cli.BoolFlag{Name: "no-index", Usage: "install only from --find-links"},
		},
		Action: build,
	}
}

// loadRecipe reads the descriptor, or falls back to the default recipe when
// the context has none.
func loadRecipe(ctx *cli.Context, contextDir string) (*recipe.Recipe, error) {
	file := ctx.String("file")
	if file == "" {
		file = filepath.Join(contextDir, "Dockerfile")
		if _, err := os.Stat(file); errors.Is(err, fs.ErrNotExist) {
			logf("no Dockerfile in %s, running %s\n", contextDir, ctx.String("script"))
			return recipe.Default([]string{"python", ctx.String("script")}), nil
		}
	}
	return recipe.ParseFile(file)
}

func build(ctx *cli.Context) error {
	contextDir := ctx.Args().First()
	if contextDir == "" {
		contextDir = "."
	}

	s, err := openStore(ctx)
	if err != nil {
		return err
	}
	history := openHistory(ctx)
	if history != nil {
		defer history.Close()
	}

	start := time.Now()
	record := db.BuildRecord{Tag: ctx.String("tag"), Context: contextDir, StartedAt: start}
	logBuild := func() {
		record.DurationMs = time.Since(start).Milliseconds()
		if history == nil {
			return
		}
		if _, err := history.LogBuild(record); err != nil {
			fmt.Println("Error logging build to database:", err)
		}
	}

	rec, err := loadRecipe(ctx, contextDir)
	if err != nil {
		fmt.Printf("%s Invalid descriptor: %v\n", red("✗"), err)
		record.Error = err.Error()
		logBuild()
		return cli.Exit("", 1)
	}
	fmt.Printf("%s Building %s from %s\n", green("✓"), contextDir, rec.Base)

	installer := &image.PipInstaller{
		Python:    ctx.String("python"),
		FindLinks: ctx.StringSlice("find-links"),
		NoIndex:   ctx.Bool("no-index"),
	}
	if Verbose {
		installer.Stdout = os.Stdout
	}

	sp := spinner.New(spinner.CharSets[14], 100*time.Millisecond)
	sp.Suffix = " Building image..."
	if !Verbose {
		sp.Start()
	}
	img, err := image.Build(ctx.Context, image.Options{
		Context:   contextDir,
		Recipe:    rec,
		Tag:       ctx.String("tag"),
		Store:     s,
		Installer: installer,
		Logf:      logf,
	})
	sp.Stop()

	if err != nil {
		fmt.Printf("%s Build failed: %v\n", red("✗"), err)
		record.Error = err.Error()
		logBuild()
		var installErr *image.InstallError
		if errors.As(err, &installErr) && installErr.ExitCode > 0 {
			return cli.Exit("", installErr.ExitCode)
		}
		return cli.Exit("", 1)
	}

	record.ImageID = img.ID
	record.Files = len(img.Files)
	logBuild()

	fmt.Printf("%s Built image %s\n", green("✓"), image.ShortID(img.ID))
	if img.Tag != "" {
		fmt.Printf("└── 🏷  Tag: %s\n", img.Tag)
	}
	return nil
}

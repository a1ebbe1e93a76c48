package main

import (
	"errors"
	"fmt"
	"io/fs"
	"os"

	"github.com/lastnameswayne/pybox/runner"
	"github.com/urfave/cli/v2"
)

// Exit statuses for failures before the script starts.
const (
	exitRunFailed = 125
	exitNotFound  = 127
)

func runCommand() *cli.Command {
	return &cli.Command{
		Name:      "run",
		Usage:     "run an image's entry script; its exit code becomes box's",
		ArgsUsage: "<image> [args...]",
		Flags: []cli.Flag{
			&cli.StringFlag{Name: "runtime", Value: "process", Usage: "process or runc", EnvVars: []string{"PYBOX_RUNTIME"}},
			&cli.StringFlag{Name: "env-file", Usage: "dotenv file applied over the image env"},
			&cli.BoolFlag{Name: "lazy", Usage: "serve the image over FUSE instead of unpacking it"},
			&cli.BoolFlag{Name: "sudo", Usage: "invoke runc through sudo"},
			&cli.DurationFlag{Name: "timeout", Usage: "kill the container after this long (runc)"},
		},
		Action: run,
	}
}

func newRuntime(ctx *cli.Context) (runner.Runner, error) {
	switch name := ctx.String("runtime"); name {
	case "process":
		return &runner.ProcessRunner{}, nil
	case "runc":
		return &runner.RuncRunner{
			Sudo:     ctx.Bool("sudo"),
			ReadOnly: ctx.Bool("lazy"),
			Timeout:  ctx.Duration("timeout"),
		}, nil
	default:
		return nil, fmt.Errorf("unknown runtime %q", name)
	}
}

func run(ctx *cli.Context) error {
	ref := ctx.Args().First()
	if ref == "" {
		return cli.Exit("an image is required", exitRunFailed)
	}

	runtime, err := newRuntime(ctx)
	if err != nil {
		return cli.Exit(err.Error(), exitRunFailed)
	}
	s, err := openStore(ctx)
	if err != nil {
		return cli.Exit(err.Error(), exitRunFailed)
	}
	history := openHistory(ctx)
	if history != nil {
		defer history.Close()
	}

	logf("running %s with the %s runtime\n", ref, ctx.String("runtime"))
	code, err := runner.Run(ctx.Context, s, ref, runner.Options{
		Runtime: runtime,
		Name:    ctx.String("runtime"),
		EnvFile: ctx.String("env-file"),
		Args:    ctx.Args().Tail(),
		Lazy:    ctx.Bool("lazy"),
		History: history,
		Stdin:   os.Stdin,
		Stdout:  os.Stdout,
		Stderr:  os.Stderr,
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "%s %v\n", red("✗"), err)
		if errors.Is(err, fs.ErrNotExist) {
			return cli.Exit("", exitNotFound)
		}
		return cli.Exit("", exitRunFailed)
	}
	if code != 0 {
		logf("%s exited with code %d\n", ref, code)
		return cli.Exit("", code)
	}
	return nil
}

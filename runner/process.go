package runner

import (
	"context"
	"errors"
	"os"
	"os/exec"
	"path"
	"sort"
	"syscall"

	"github.com/lastnameswayne/pybox/image"
)

// ProcessRunner runs the entrypoint as a plain host process rooted at the
// image working directory, with the installed packages on PYTHONPATH.
type ProcessRunner struct{}

func (p *ProcessRunner) Run(ctx context.Context, spec Spec) (int, error) {
	argv := spec.Command()
	if len(argv) == 0 {
		return 0, ErrNoEntrypoint
	}
	for i, a := range argv {
		argv[i] = hostArg(spec.Rootfs, a, i == 0)
	}

	cmd := exec.CommandContext(ctx, argv[0], argv[1:]...)
	cmd.Dir = image.HostPath(spec.Rootfs, spec.Image.Workdir)
	cmd.Env = processEnv(spec)
	cmd.Stdin = spec.Stdin
	cmd.Stdout = spec.Stdout
	cmd.Stderr = spec.Stderr

	err := cmd.Run()
	return exitCode(err)
}

// hostArg maps absolute image paths to the materialized rootfs. The program
// itself is only mapped when the host has no such file.
func hostArg(rootfs, arg string, program bool) string {
	if !path.IsAbs(arg) {
		return arg
	}
	if program {
		if _, err := os.Stat(arg); err == nil {
			return arg
		}
	}
	mapped := image.HostPath(rootfs, arg)
	if _, err := os.Lstat(mapped); err == nil {
		return mapped
	}
	return arg
}

// processEnv is the host environment overlaid with the image env. PATH stays
// the host's since image binaries are not runnable here.
func processEnv(spec Spec) []string {
	env := os.Environ()
	keys := make([]string, 0, len(spec.Env))
	for k := range spec.Env {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		if k == "PATH" {
			continue
		}
		env = append(env, k+"="+spec.Env[k])
	}
	return append(env, "PYTHONPATH="+image.SitePackagesPath(spec.Rootfs), "PYTHONDONTWRITEBYTECODE=1")
}

// exitCode turns a finished command's error into its exit status. Signals
// follow the shell convention of 128+n.
func exitCode(err error) (int, error) {
	if err == nil {
		return 0, nil
	}
	var exitErr *exec.ExitError
	if !errors.As(err, &exitErr) {
		return 0, err
	}
	if status, ok := exitErr.Sys().(syscall.WaitStatus); ok && status.Signaled() {
		return 128 + int(status.Signal()), nil
	}
	return exitErr.ExitCode(), nil
}

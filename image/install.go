package image

import (
	"bytes"
	"context"
	"errors"
	"io"
	"os/exec"
	"strings"
)

// Installer puts every package of a dependency manifest into target.
type Installer interface {
	Install(ctx context.Context, manifest, target string) error
}

// PipInstaller installs with `python -m pip install --target`.
type PipInstaller struct {
	Python    string   // interpreter, defaults to python3
	FindLinks []string // local wheel directories
	NoIndex   bool     // resolve only from FindLinks
	Stdout    io.Writer
}

func (p *PipInstaller) args(manifest, target string) []string {
	args := []string{
		"-m", "pip", "install",
		"--disable-pip-version-check",
		"--no-input",
		"--no-cache-dir",
		"--target", target,
		"--requirement", manifest,
	}
	for _, dir := range p.FindLinks {
		args = append(args, "--find-links", dir)
	}
	if p.NoIndex {
		args = append(args, "--no-index")
	}
	return args
}

func (p *PipInstaller) Install(ctx context.Context, manifest, target string) error {
	python := p.Python
	if python == "" {
		python = "python3"
	}

	var output bytes.Buffer
	cmd := exec.CommandContext(ctx, python, p.args(manifest, target)...)
	cmd.Stdout = &output
	cmd.Stderr = &output
	if p.Stdout != nil {
		cmd.Stdout = io.MultiWriter(&output, p.Stdout)
		cmd.Stderr = io.MultiWriter(&output, p.Stdout)
	}

	err := cmd.Run()
	if err == nil {
		return nil
	}

	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		return &InstallError{
			ExitCode: exitErr.ExitCode(),
			Output:   strings.TrimSpace(output.String()),
		}
	}
	return err
}

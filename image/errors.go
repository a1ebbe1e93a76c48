package image

import (
	"errors"
	"fmt"
)

var (
	ErrBuild   = errors.New("build failed")
	ErrCopy    = errors.New("copy failed")
	ErrInstall = errors.New("dependency install failed")
	ErrImport  = errors.New("import failed")

	// ErrUnsafePath is returned when an archive or image entry would be
	// written through a symlink.
	ErrUnsafePath = errors.New("path escapes through a symlink")
)

// InstallError carries the installer's own exit status and output.
type InstallError struct {
	ExitCode int
	Output   string
}

func (e *InstallError) Error() string {
	return fmt.Sprintf("installer exited with status %d: %s", e.ExitCode, e.Output)
}

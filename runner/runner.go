package runner

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log"
	"os"
	"path"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/lastnameswayne/pybox/db"
	"github.com/lastnameswayne/pybox/image"
	"github.com/lastnameswayne/pybox/imagefs"
	"github.com/lastnameswayne/pybox/store"
)

var (
	// ErrEntrypointNotFound means the script the entrypoint names is not in the image.
	// It matches fs.ErrNotExist.
	ErrEntrypointNotFound = fmt.Errorf("entrypoint script not found: %w", fs.ErrNotExist)
	ErrNoEntrypoint       = errors.New("image has no entrypoint")
)

// Spec is one run of an image's entrypoint.
type Spec struct {
	Image  *store.Image
	Rootfs string   // host directory holding the image filesystem
	Args   []string // appended to the entrypoint
	Env    map[string]string
	Stdin  io.Reader
	Stdout io.Writer
	Stderr io.Writer
}

// Command is the full argv: entrypoint then extra args.
func (s Spec) Command() []string {
	return append(append([]string{}, s.Image.Entrypoint...), s.Args...)
}

// Runner starts the entrypoint as exactly one foreground process and returns
// its exit status unchanged.
type Runner interface {
	Run(ctx context.Context, spec Spec) (int, error)
}

// EntryScript returns the image path of the script the entrypoint runs, or ""
// when the entrypoint runs inline code (`-c`, `-m`) or a bare command.
func EntryScript(img *store.Image) (string, error) {
	ep := img.Entrypoint
	if len(ep) == 0 {
		return "", ErrNoEntrypoint
	}

	script := ""
	if len(ep) == 1 {
		if strings.Contains(ep[0], "/") || path.Ext(ep[0]) != "" {
			script = ep[0]
		}
	} else {
		args := ep[1:]
		if path.Base(ep[0]) == "env" && len(args) > 0 {
			args = args[1:]
		}
		for _, a := range args {
			if a == "-c" || a == "-m" {
				return "", nil
			}
			if strings.HasPrefix(a, "-") {
				continue
			}
			script = a
			break
		}
	}
	if script == "" {
		return "", nil
	}
	if !path.IsAbs(script) {
		script = path.Join(img.Workdir, script)
	}
	return path.Clean(script), nil
}

// CheckEntrypoint fails with ErrEntrypointNotFound when the entry script is
// missing below rootfs.
func CheckEntrypoint(img *store.Image, rootfs string) error {
	script, err := EntryScript(img)
	if err != nil || script == "" {
		return err
	}
	if _, err := os.Lstat(image.HostPath(rootfs, script)); err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return fmt.Errorf("%w: %s", ErrEntrypointNotFound, script)
		}
		return err
	}
	return nil
}

// Options controls Run.
type Options struct {
	Runtime Runner
	Name    string // runtime name recorded in history
	EnvFile string // dotenv file applied over the image env
	Args    []string
	Lazy    bool // serve the rootfs over FUSE instead of writing it out
	History *db.DB
	Stdin   io.Reader
	Stdout  io.Writer
	Stderr  io.Writer
}

// Run resolves ref, prepares its rootfs, checks the entry script and starts it.
// Nothing is started if the script is missing.
func Run(ctx context.Context, s *store.Store, ref string, opts Options) (int, error) {
	img, err := s.Image(ref)
	if err != nil {
		return 0, err
	}
	if _, err := EntryScript(img); err != nil {
		return 0, err
	}

	env := map[string]string{}
	for k, v := range img.Env {
		env[k] = v
	}
	if opts.EnvFile != "" {
		fileEnv, err := godotenv.Read(opts.EnvFile)
		if err != nil {
			return 0, fmt.Errorf("reading env file: %w", err)
		}
		for k, v := range fileEnv {
			env[k] = v
		}
	}

	rootfs, err := os.MkdirTemp("", "pybox-run-")
	if err != nil {
		return 0, err
	}
	defer os.RemoveAll(rootfs)

	var mounted *imagefs.FS
	if opts.Lazy {
		server, fsys, err := imagefs.Mount(rootfs, imagefs.StoreSource{Store: s}, img, false)
		if err != nil {
			return 0, fmt.Errorf("mounting image: %w", err)
		}
		defer server.Unmount()
		mounted = fsys
	} else if err := image.Materialize(ctx, s, img, rootfs); err != nil {
		return 0, fmt.Errorf("materializing image: %w", err)
	}

	if err := CheckEntrypoint(img, rootfs); err != nil {
		return 0, err
	}

	runtime := opts.Runtime
	if runtime == nil {
		runtime = &ProcessRunner{}
	}
	spec := Spec{
		Image:  img,
		Rootfs: rootfs,
		Args:   opts.Args,
		Env:    env,
		Stdin:  opts.Stdin,
		Stdout: opts.Stdout,
		Stderr: opts.Stderr,
	}

	startTime := time.Now()
	code, runErr := runtime.Run(ctx, spec)
	duration := time.Since(startTime)

	if opts.History != nil {
		rec := db.RunRecord{
			ImageID:    img.ID,
			Entrypoint: strings.Join(spec.Command(), " "),
			Runtime:    opts.Name,
			StartedAt:  startTime,
			DurationMs: duration.Milliseconds(),
			ExitCode:   code,
		}
		if runErr != nil {
			rec.Error = runErr.Error()
		}
		if mounted != nil {
			st := mounted.Stats()
			rec.BlobReads, rec.DiskCacheHits, rec.ServerFetches = st.BlobReads, st.DiskCacheHits, st.ServerFetches
		}
		if _, err := opts.History.LogRun(rec); err != nil {
			log.Printf("Error logging run to database: %v", err)
		}
	}
	return code, runErr
}

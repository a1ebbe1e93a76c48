package recipe

import (
	"errors"
	"fmt"
	"io"
	"os"
	"path"
	"strings"

	"github.com/moby/buildkit/frontend/dockerfile/parser"
)

const (
	DefaultBase     = "python:3-slim"
	DefaultWorkdir  = "/app"
	DefaultManifest = "requirements.txt"
)

var (
	ErrMissingBase            = errors.New("descriptor has no FROM instruction")
	ErrMissingEntrypoint      = errors.New("descriptor has no CMD or ENTRYPOINT instruction")
	ErrUnsupportedInstruction = errors.New("unsupported instruction")
	ErrInvalidRequirement     = errors.New("invalid requirement")
)

// LineError ties a descriptor or manifest error to its source line.
type LineError struct {
	Line int
	Err  error
}

func (e *LineError) Error() string {
	return fmt.Sprintf("line %d: %v", e.Line, e.Err)
}

func (e *LineError) Unwrap() error {
	return e.Err
}

// Recipe is everything a build and a run need from a descriptor.
type Recipe struct {
	Base       string            `json:"base"`
	Workdir    string            `json:"workdir"`
	Copies     []Copy            `json:"copies"`
	Manifest   string            `json:"manifest,omitempty"` // relative to Workdir
	Env        map[string]string `json:"env,omitempty"`
	Entrypoint []string          `json:"entrypoint"`
}

// Copy moves Src (relative to the build context) to Dest (absolute in the image).
type Copy struct {
	Src  string `json:"src"`
	Dest string `json:"dest"`
}

// Default is the recipe used for a context without a descriptor.
func Default(entrypoint []string) *Recipe {
	return &Recipe{
		Base:       DefaultBase,
		Workdir:    DefaultWorkdir,
		Copies:     []Copy{{Src: ".", Dest: DefaultWorkdir}},
		Manifest:   DefaultManifest,
		Env:        map[string]string{},
		Entrypoint: entrypoint,
	}
}

func ParseFile(p string) (*Recipe, error) {
	f, err := os.Open(p)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	return Parse(f)
}

// Parse reads a Dockerfile-syntax descriptor.
func Parse(r io.Reader) (*Recipe, error) {
	result, err := parser.Parse(r)
	if err != nil {
		return nil, fmt.Errorf("parse descriptor: %w", err)
	}

	rec := &Recipe{Env: map[string]string{}}
	var entrypoint, cmd []string
	shellEntrypoint := false

	for _, node := range result.AST.Children {
		args := nodeArgs(node)
		line := node.StartLine

		switch strings.ToLower(node.Value) {
		case "from":
			if rec.Base != "" {
				return nil, &LineError{line, fmt.Errorf("%w: multi-stage FROM", ErrUnsupportedInstruction)}
			}
			if len(args) == 0 {
				return nil, &LineError{line, ErrMissingBase}
			}
			rec.Base = args[0]
		case "workdir":
			if len(args) != 1 {
				return nil, &LineError{line, fmt.Errorf("WORKDIR takes one path")}
			}
			rec.Workdir = joinWorkdir(rec.Workdir, args[0])
		case "copy", "add":
			for _, flag := range node.Flags {
				if strings.HasPrefix(flag, "--from") {
					return nil, &LineError{line, fmt.Errorf("%w: %s", ErrUnsupportedInstruction, flag)}
				}
			}
			copies, err := parseCopy(args, rec.workdir())
			if err != nil {
				return nil, &LineError{line, err}
			}
			rec.Copies = append(rec.Copies, copies...)
		case "env":
			for i := 0; i+1 < len(args); {
				rec.Env[args[i]] = args[i+1]
				i += 2
				// newer parsers add the separator as a third node
				if i < len(args) && (args[i] == "=" || args[i] == "") {
					i++
				}
			}
		case "run":
			manifest, err := parsePipInstall(node, args)
			if err != nil {
				return nil, &LineError{line, err}
			}
			rec.Manifest = manifest
		case "cmd":
			cmd = commandArgs(node, args)
		case "entrypoint":
			entrypoint = commandArgs(node, args)
			shellEntrypoint = !isJSON(node)
		case "label", "expose", "arg", "user":
			// metadata only; nothing to build or run
		default:
			return nil, &LineError{line, fmt.Errorf("%w: %s", ErrUnsupportedInstruction, strings.ToUpper(node.Value))}
		}
	}

	if rec.Base == "" {
		return nil, ErrMissingBase
	}
	rec.Workdir = rec.workdir()

	// a shell-form ENTRYPOINT takes no arguments from CMD
	if shellEntrypoint {
		cmd = nil
	}
	rec.Entrypoint = append(entrypoint, cmd...)
	if len(rec.Entrypoint) == 0 {
		return nil, ErrMissingEntrypoint
	}
	return rec, nil
}

// ManifestPath is where the dependency manifest lives inside the image.
func (r *Recipe) ManifestPath() string {
	if r.Manifest == "" {
		return ""
	}
	if path.IsAbs(r.Manifest) {
		return r.Manifest
	}
	return path.Join(r.workdir(), r.Manifest)
}

func (r *Recipe) workdir() string {
	if r.Workdir == "" {
		return "/"
	}
	return r.Workdir
}

func nodeArgs(node *parser.Node) []string {
	args := []string{}
	for n := node.Next; n != nil; n = n.Next {
		args = append(args, n.Value)
	}
	return args
}

func isJSON(node *parser.Node) bool {
	return node.Attributes != nil && node.Attributes["json"]
}

// commandArgs turns a CMD/ENTRYPOINT node into argv. Shell form goes through /bin/sh -c.
func commandArgs(node *parser.Node, args []string) []string {
	if isJSON(node) {
		return args
	}
	if len(args) == 0 {
		return nil
	}
	return []string{"/bin/sh", "-c", strings.Join(args, " ")}
}

func joinWorkdir(current, next string) string {
	if path.IsAbs(next) {
		return path.Clean(next)
	}
	if current == "" {
		current = "/"
	}
	return path.Join(current, next)
}

func parseCopy(args []string, workdir string) ([]Copy, error) {
	if len(args) < 2 {
		return nil, fmt.Errorf("COPY needs a source and a destination")
	}
	dest := args[len(args)-1]
	if !path.IsAbs(dest) {
		dest = path.Join(workdir, dest)
	}

	srcs := args[:len(args)-1]
	copies := make([]Copy, 0, len(srcs))
	for _, src := range srcs {
		if strings.Contains(src, "://") {
			return nil, fmt.Errorf("%w: remote source %q", ErrUnsupportedInstruction, src)
		}
		d := path.Clean(dest)
		// several sources always land inside dest
		if len(srcs) > 1 || strings.HasSuffix(args[len(args)-1], "/") {
			if src != "." {
				d = path.Join(d, path.Base(src))
			}
		}
		copies = append(copies, Copy{Src: path.Clean(src), Dest: d})
	}
	return copies, nil
}

// parsePipInstall accepts only the dependency install step: pip install -r <manifest>.
func parsePipInstall(node *parser.Node, args []string) (string, error) {
	var fields []string
	if isJSON(node) {
		fields = args
	} else {
		fields = strings.Fields(strings.Join(args, " "))
	}

	unsupported := fmt.Errorf("%w: RUN %s", ErrUnsupportedInstruction, strings.Join(fields, " "))

	i := 0
	switch {
	case len(fields) >= 3 && strings.HasPrefix(path.Base(fields[0]), "python") && fields[1] == "-m" && fields[2] == "pip":
		i = 3
	case len(fields) >= 1 && strings.HasPrefix(path.Base(fields[0]), "pip"):
		i = 1
	default:
		return "", unsupported
	}
	if i >= len(fields) || fields[i] != "install" {
		return "", unsupported
	}

	manifest := ""
	for j := i + 1; j < len(fields); j++ {
		f := fields[j]
		switch {
		case f == "-r" || f == "--requirement":
			if j+1 >= len(fields) {
				return "", unsupported
			}
			manifest = fields[j+1]
			j++
		case strings.HasPrefix(f, "--requirement="):
			manifest = strings.TrimPrefix(f, "--requirement=")
		case strings.HasPrefix(f, "-"):
			// installer flags such as --no-cache-dir do not change what gets installed
		default:
			// inline packages would bypass the manifest
			return "", unsupported
		}
	}
	if manifest == "" {
		return "", unsupported
	}
	return manifest, nil
}

package recipe

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"regexp"
	"strings"
	"unicode"
)

// Requirement is one line of a dependency manifest.
type Requirement struct {
	Name      string
	Specifier string   // everything after the name: extras, versions, markers
	Hashes    []string // --hash options, kept for the installer
	Line      int
}

func (r Requirement) String() string {
	return r.Name + r.Specifier
}

// PEP 508 project name, optionally followed by extras/version/marker text.
var requirementRe = regexp.MustCompile(`^([A-Za-z0-9](?:[A-Za-z0-9._-]*[A-Za-z0-9])?)(\s*(\[[^\]]*\])?\s*(.*))$`)

var versionRe = regexp.MustCompile(`^((===|~=|==|!=|<=|>=|<|>)\s*[A-Za-z0-9.*+!_-]+\s*,?\s*)+$`)

// a comment starts at a # that opens the line or follows whitespace
var commentRe = regexp.MustCompile(`(^|\s)#.*$`)

// per-requirement options follow the specifier
var optionsRe = regexp.MustCompile(`\s--`)

func ParseManifestFile(p string) ([]Requirement, error) {
	f, err := os.Open(p)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	return ParseManifest(f)
}

// ParseManifest reads one package specifier per line. Lines ending in a
// backslash continue on the next line.
func ParseManifest(r io.Reader) ([]Requirement, error) {
	reqs := []Requirement{}
	scanner := bufio.NewScanner(r)
	lineNo, startLine := 0, 0
	pending := ""
	for scanner.Scan() {
		lineNo++
		text := commentRe.ReplaceAllString(scanner.Text(), "")
		if pending == "" {
			startLine = lineNo
		}
		trimmed := strings.TrimRightFunc(text, unicode.IsSpace)
		if strings.HasSuffix(trimmed, "\\") {
			pending += strings.TrimSuffix(trimmed, "\\") + " "
			continue
		}
		line := strings.TrimSpace(pending + text)
		pending = ""

		req, ok, err := parseLine(line)
		if err != nil {
			return nil, &LineError{startLine, err}
		}
		if ok {
			req.Line = startLine
			reqs = append(reqs, req)
		}
	}
	if err := scanner.Err(); err != nil {
		return nil, err
	}
	if line := strings.TrimSpace(pending); line != "" {
		req, ok, err := parseLine(line)
		if err != nil {
			return nil, &LineError{startLine, err}
		}
		if ok {
			req.Line = startLine
			reqs = append(reqs, req)
		}
	}
	return reqs, nil
}

func parseLine(line string) (Requirement, bool, error) {
	if line == "" {
		return Requirement{}, false, nil
	}
	if strings.HasPrefix(line, "-") {
		return Requirement{}, false, fmt.Errorf("%w: installer option %q", ErrInvalidRequirement, line)
	}
	req, err := parseRequirement(line)
	return req, err == nil, err
}

func parseRequirement(line string) (Requirement, error) {
	spec, hashes, err := splitOptions(line)
	if err != nil {
		return Requirement{}, err
	}

	m := requirementRe.FindStringSubmatch(spec)
	if m == nil {
		return Requirement{}, fmt.Errorf("%w: %q", ErrInvalidRequirement, line)
	}
	name, rest, tail := m[1], m[2], strings.TrimSpace(m[4])

	version := tail
	if i := strings.Index(tail, ";"); i >= 0 {
		version = strings.TrimSpace(tail[:i])
	}
	if strings.HasPrefix(version, "@") {
		version = ""
	}
	if version != "" && !versionRe.MatchString(version) {
		return Requirement{}, fmt.Errorf("%w: %q", ErrInvalidRequirement, line)
	}
	return Requirement{Name: name, Specifier: strings.TrimSpace(rest), Hashes: hashes}, nil
}

// splitOptions separates the specifier from trailing --hash options. Any
// other per-requirement option is rejected.
func splitOptions(line string) (string, []string, error) {
	loc := optionsRe.FindStringIndex(line)
	if loc == nil {
		return line, nil, nil
	}
	spec := strings.TrimSpace(line[:loc[0]])
	fields := strings.Fields(line[loc[0]:])

	hashes := []string{}
	for i := 0; i < len(fields); i++ {
		switch {
		case strings.HasPrefix(fields[i], "--hash="):
			hashes = append(hashes, strings.TrimPrefix(fields[i], "--hash="))
		case fields[i] == "--hash" && i+1 < len(fields):
			hashes = append(hashes, fields[i+1])
			i++
		default:
			return "", nil, fmt.Errorf("%w: unsupported option %q", ErrInvalidRequirement, fields[i])
		}
	}
	for _, h := range hashes {
		if algo, digest, ok := strings.Cut(h, ":"); !ok || algo == "" || digest == "" {
			return "", nil, fmt.Errorf("%w: malformed hash %q", ErrInvalidRequirement, h)
		}
	}
	return spec, hashes, nil
}

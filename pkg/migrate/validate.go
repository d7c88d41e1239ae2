package migrate

import (
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strconv"
	"strings"

	"go.uber.org/multierr"
)

const (
	upMarker   = "-- +goose Up"
	downMarker = "-- +goose Down"
)

var (
	sqlFileRe    = regexp.MustCompile(`^(\d{14})_[a-z0-9_]+\.sql$`)
	constraintRe = regexp.MustCompile(`(?i)\b(DROP\s+)?CONSTRAINT\s+(?:IF\s+EXISTS\s+)?([a-z0-9_]+)`)
	indexRe      = regexp.MustCompile(`(?i)\bCREATE\s+(UNIQUE\s+)?INDEX\s+(?:CONCURRENTLY\s+)?(?:IF\s+NOT\s+EXISTS\s+)?([a-z0-9_]+)`)

	constraintPrefixes = []string{"fk_", "chk_", "ux_", "pk_"}
)

// sqlFile is one migration script split into its goose sections.
type sqlFile struct {
	version int64
	name    string
	up      string
	down    string
}

// ValidateDir checks every migration in dir and reports all problems at once:
//   - filenames are YYYYMMDDHHMMSS_name.sql with unique versions
//   - both goose sections exist and hold at least one statement
//   - constraints are named fk_/chk_/ux_/pk_, indexes idx_ (or ux_ when unique)
//   - constraint and index names are unique across the directory
func ValidateDir(dir string) error {
	files, err := readDir(dir)
	if err != nil {
		return err
	}

	var errs error
	names := map[string]string{}
	for _, f := range files {
		if !hasStatement(f.up) {
			errs = multierr.Append(errs, fmt.Errorf("%s: up section has no statements", f.name))
		}
		if !hasStatement(f.down) {
			errs = multierr.Append(errs, fmt.Errorf("%s: down section has no statements", f.name))
		}
		for _, obj := range schemaObjects(f.up) {
			if err := obj.checkName(); err != nil {
				errs = multierr.Append(errs, fmt.Errorf("%s: %w", f.name, err))
			}
			if prev, ok := names[obj.name]; ok {
				errs = multierr.Append(errs, fmt.Errorf("%s: %s %q already defined in %s", f.name, obj.kind, obj.name, prev))
				continue
			}
			names[obj.name] = f.name
		}
	}
	return errs
}

func readDir(dir string) ([]sqlFile, error) {
	if dir == "" {
		return nil, fmt.Errorf("dir is required")
	}
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("read dir %q: %w", dir, err)
	}

	var (
		files []sqlFile
		errs  error
	)
	seen := map[int64]string{}
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), ".sql") {
			continue
		}
		name := e.Name()
		m := sqlFileRe.FindStringSubmatch(name)
		if m == nil {
			errs = multierr.Append(errs, fmt.Errorf("invalid migration filename %q (expected YYYYMMDDHHMMSS_name.sql)", name))
			continue
		}
		version, _ := strconv.ParseInt(m[1], 10, 64)
		if prev, ok := seen[version]; ok {
			errs = multierr.Append(errs, fmt.Errorf("duplicate migration version %d in %q and %q", version, prev, name))
			continue
		}
		seen[version] = name

		b, err := os.ReadFile(filepath.Join(dir, name))
		if err != nil {
			errs = multierr.Append(errs, fmt.Errorf("read file %q: %w", name, err))
			continue
		}
		up, down, err := splitSections(string(b))
		if err != nil {
			errs = multierr.Append(errs, fmt.Errorf("%s: %w", name, err))
			continue
		}
		files = append(files, sqlFile{version: version, name: name, up: up, down: down})
	}
	sort.Slice(files, func(i, j int) bool { return files[i].version < files[j].version })
	return files, errs
}

func splitSections(txt string) (string, string, error) {
	upAt := strings.Index(txt, upMarker)
	downAt := strings.Index(txt, downMarker)
	switch {
	case upAt < 0:
		return "", "", fmt.Errorf("missing %q", upMarker)
	case downAt < 0:
		return "", "", fmt.Errorf("missing %q", downMarker)
	case downAt < upAt:
		return "", "", fmt.Errorf("%q must come before %q", upMarker, downMarker)
	}
	return txt[upAt+len(upMarker) : downAt], txt[downAt+len(downMarker):], nil
}

// stripComments drops "--" line comments, goose annotations included.
func stripComments(section string) string {
	var b strings.Builder
	for _, line := range strings.Split(section, "\n") {
		if i := strings.Index(line, "--"); i >= 0 {
			line = line[:i]
		}
		b.WriteString(line)
		b.WriteByte('\n')
	}
	return b.String()
}

func hasStatement(section string) bool {
	return strings.TrimSpace(stripComments(section)) != ""
}

type schemaObject struct {
	kind   string
	name   string
	unique bool
}

func schemaObjects(up string) []schemaObject {
	body := stripComments(up)
	var out []schemaObject
	for _, m := range constraintRe.FindAllStringSubmatch(body, -1) {
		if m[1] != "" {
			continue
		}
		out = append(out, schemaObject{kind: "constraint", name: strings.ToLower(m[2])})
	}
	for _, m := range indexRe.FindAllStringSubmatch(body, -1) {
		out = append(out, schemaObject{kind: "index", name: strings.ToLower(m[2]), unique: m[1] != ""})
	}
	return out
}

func (o schemaObject) checkName() error {
	switch o.kind {
	case "index":
		want := "idx_"
		if o.unique {
			want = "ux_"
		}
		if !strings.HasPrefix(o.name, want) {
			return fmt.Errorf("index %q must be prefixed %s", o.name, want)
		}
	default:
		for _, prefix := range constraintPrefixes {
			if strings.HasPrefix(o.name, prefix) {
				return nil
			}
		}
		return fmt.Errorf("constraint %q must be prefixed one of %s", o.name, strings.Join(constraintPrefixes, ", "))
	}
	return nil
}

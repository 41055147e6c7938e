package migrator

import (
	"bufio"
	"bytes"
	"io/fs"
	"path"
	"regexp"
	"slices"
	"strconv"
	"strings"

	"github.com/cockroachdb/errors"
)

// Migration is one NNN_name.sql file.
type Migration struct {
	Version       int
	Name          string
	UpSQL         string
	NoTransaction bool
	Dependencies  []int
}

var (
	filenameRegex = regexp.MustCompile(`^(\d{3})_([a-zA-Z0-9_-]+)\.sql$`)
	upMarkerRegex = regexp.MustCompile(`^--\s*\+migrate\s+Up(\s+notransaction)?\s*$`)
	dependsRegex  = regexp.MustCompile(`^--\s*\+migrate\s+Depends:(.*)$`)
)

// ParseMigrationFile reads a single migration file from fsys and parses it.
func ParseMigrationFile(fsys fs.FS, name string) (*Migration, error) {
	content, err := fs.ReadFile(fsys, name)
	if err != nil {
		return nil, errors.Wrap(err, "read migration file")
	}

	return ParseMigration(path.Base(name), content)
}

// ParseMigration parses the content of a migration named NNN_name.sql.
//
// The file must contain a "-- +migrate Up" marker, optionally followed by
// "notransaction". "-- +migrate Depends: 001 002" lines placed after the
// marker and before the first statement declare dependencies.
func ParseMigration(filename string, content []byte) (*Migration, error) {
	matches := filenameRegex.FindStringSubmatch(filename)
	if matches == nil {
		return nil, errors.Newf("invalid migration filename format: %s (expected NNN_name.sql)", filename)
	}

	version, _ := strconv.Atoi(matches[1])
	m := &Migration{Version: version, Name: matches[2]}

	var (
		body     []string
		sawUp    bool
		inHeader bool
	)

	scanner := bufio.NewScanner(bytes.NewReader(content))
	for scanner.Scan() {
		line := scanner.Text()
		trimmed := strings.TrimSpace(line)

		if !sawUp {
			if up := upMarkerRegex.FindStringSubmatch(trimmed); up != nil {
				sawUp = true
				inHeader = true
				m.NoTransaction = strings.TrimSpace(up[1]) == "notransaction"
			}
			continue
		}

		if inHeader {
			if dep := dependsRegex.FindStringSubmatch(trimmed); dep != nil {
				deps, err := parseDependencies(filename, dep[1])
				if err != nil {
					return nil, err
				}
				m.Dependencies = append(m.Dependencies, deps...)
				continue
			}
			if trimmed == "" || strings.HasPrefix(trimmed, "--") {
				continue
			}
			inHeader = false
		}

		body = append(body, line)
	}
	if err := scanner.Err(); err != nil {
		return nil, errors.Wrapf(err, "read migration %s", filename)
	}

	if !sawUp {
		return nil, errors.Newf("missing '-- +migrate Up' marker in migration file: %s", filename)
	}

	m.UpSQL = strings.TrimSpace(strings.Join(body, "\n"))
	if m.UpSQL == "" {
		return nil, errors.Newf("migration file contains no SQL statements: %s", filename)
	}

	return m, nil
}

func parseDependencies(filename, list string) ([]int, error) {
	fields := strings.Fields(list)
	if len(fields) == 0 {
		return nil, errors.Newf("empty dependency list in migration file: %s", filename)
	}

	deps := make([]int, 0, len(fields))
	for _, f := range fields {
		dep, err := strconv.Atoi(f)
		if err != nil {
			return nil, errors.Newf("invalid dependency version '%s' in migration file: %s", f, filename)
		}
		deps = append(deps, dep)
	}
	return deps, nil
}

// LoadMigrations parses every migration at the root of fsys and returns them
// sorted by version. Files not named NNN_name.sql are ignored. Versions must
// start at 1 without gaps or duplicates, and dependencies must exist and be
// acyclic.
func LoadMigrations(fsys fs.FS) ([]Migration, error) {
	entries, err := fs.ReadDir(fsys, ".")
	if err != nil {
		return nil, errors.Wrap(err, "read migrations directory")
	}

	var migrations []Migration
	for _, entry := range entries {
		if entry.IsDir() || !filenameRegex.MatchString(entry.Name()) {
			continue
		}

		m, err := ParseMigrationFile(fsys, entry.Name())
		if err != nil {
			return nil, err
		}
		migrations = append(migrations, *m)
	}

	slices.SortStableFunc(migrations, func(a, b Migration) int {
		return a.Version - b.Version
	})

	if err := detectCycle(migrations); err != nil {
		return nil, err
	}

	versions := make(map[int]bool, len(migrations))
	for _, m := range migrations {
		versions[m.Version] = true
	}
	for _, m := range migrations {
		for _, dep := range m.Dependencies {
			if !versions[dep] {
				return nil, errors.Newf("migration %d depends on non-existent version %d", m.Version, dep)
			}
		}
	}

	for i, m := range migrations {
		if i > 0 && migrations[i-1].Version == m.Version {
			return nil, errors.Newf("duplicate migration version: %d", m.Version)
		}
	}
	for i, m := range migrations {
		if m.Version != i+1 {
			return nil, errors.Newf("gap in migration versions: expected %d, found %d", i+1, m.Version)
		}
	}

	return migrations, nil
}

// detectCycle walks the dependency graph depth first. A dependency that is
// still on the stack closes a cycle.
func detectCycle(migrations []Migration) error {
	const (
		unvisited = iota
		visiting
		done
	)

	graph := make(map[int][]int, len(migrations))
	for _, m := range migrations {
		graph[m.Version] = m.Dependencies
	}

	state := make(map[int]int, len(migrations))

	var visit func(node int, stack []int) error
	visit = func(node int, stack []int) error {
		state[node] = visiting
		stack = append(stack, node)

		for _, dep := range graph[node] {
			switch state[dep] {
			case visiting:
				return errors.Newf("circular dependency detected: %v", append(stack, dep))
			case unvisited:
				if err := visit(dep, stack); err != nil {
					return err
				}
			}
		}

		state[node] = done
		return nil
	}

	for _, m := range migrations {
		if state[m.Version] == unvisited {
			if err := visit(m.Version, nil); err != nil {
				return err
			}
		}
	}

	return nil
}

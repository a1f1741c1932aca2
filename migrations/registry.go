// Package migrations resolves the embedded schema migrations for the SQL
// dialects the subscription and attempt stores run on.
package migrations

import (
	"errors"
	"fmt"
	"io/fs"
	"sort"
	"strings"

	formhooks "github.com/goliatone/go-formhooks"
)

type Dialect string

const (
	Postgres Dialect = "postgres"
	SQLite   Dialect = "sqlite"
)

const rootDir = "data/sql/migrations"

var ErrUnknownDialect = errors.New("migrations: unknown dialect")

// DialectForDriver maps a database/sql driver name to the migration dialect.
func DialectForDriver(driver string) (Dialect, error) {
	switch strings.ToLower(strings.TrimSpace(driver)) {
	case "postgres", "pgx", "pg":
		return Postgres, nil
	case "sqlite", "sqlite3":
		return SQLite, nil
	default:
		return "", fmt.Errorf("%w: %q", ErrUnknownDialect, driver)
	}
}

// Set is the ordered migrations of one dialect. FS is rooted at Dir and is
// what a persistence client registers.
type Set struct {
	Dialect  Dialect
	Dir      string
	FS       fs.FS
	Versions []string
}

// Load resolves the migrations for dialect from the embedded tree, or from
// source when one is given. Postgres files live at the root, sqlite files in
// a sqlite/ subdirectory. Every up file must have a down file.
func Load(dialect Dialect, source ...fs.FS) (Set, error) {
	tree := formhooks.GetMigrationsFS()
	if len(source) > 0 && source[0] != nil {
		tree = source[0]
	}

	dir := rootDir
	switch dialect {
	case Postgres:
	case SQLite:
		dir = rootDir + "/sqlite"
	default:
		return Set{}, fmt.Errorf("%w: %q", ErrUnknownDialect, dialect)
	}

	sub, err := fs.Sub(tree, dir)
	if err != nil {
		return Set{}, fmt.Errorf("migrations: open %s: %w", dir, err)
	}
	ups, err := fs.Glob(sub, "*.up.sql")
	if err != nil {
		return Set{}, fmt.Errorf("migrations: list %s: %w", dir, err)
	}
	if len(ups) == 0 {
		return Set{}, fmt.Errorf("migrations: no %s migrations under %s", dialect, dir)
	}
	sort.Strings(ups)

	versions := make([]string, 0, len(ups))
	for _, up := range ups {
		version := strings.TrimSuffix(up, ".up.sql")
		if _, err := fs.Stat(sub, version+".down.sql"); err != nil {
			return Set{}, fmt.Errorf("migrations: %s/%s has no down migration", dir, version)
		}
		versions = append(versions, version)
	}

	return Set{
		Dialect:  dialect,
		Dir:      dir,
		FS:       sub,
		Versions: versions,
	}, nil
}

// ForDriver is Load keyed by database/sql driver name.
func ForDriver(driver string, source ...fs.FS) (Set, error) {
	dialect, err := DialectForDriver(driver)
	if err != nil {
		return Set{}, err
	}
	return Load(dialect, source...)
}

// Latest returns the highest version in the set.
func (s Set) Latest() string {
	if len(s.Versions) == 0 {
		return ""
	}
	return s.Versions[len(s.Versions)-1]
}

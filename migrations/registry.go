package migrations

import (
	"context"
	"fmt"
	"io/fs"
	"slices"
	"strings"

	payhooks "github.com/goliatone/go-payhooks"
)

const (
	DialectPostgres = "postgres"
	DialectSQLite   = "sqlite"

	rootPath   = "data/sql/migrations"
	sqlitePath = rootPath + "/sqlite"
)

// Set is the migration tree for one SQL dialect.
type Set struct {
	Dialect string
	Path    string
	FS      fs.FS
	// Versions lists migration names without the .up.sql/.down.sql suffix.
	Versions []string
}

// RegisterFunc hands a dialect's migration tree to a runner, typically a
// go-persistence-bun client via RegisterSQLMigrations.
type RegisterFunc func(ctx context.Context, set Set) error

// Sets loads the embedded trees. Every up migration must have a matching
// down migration.
func Sets() ([]Set, error) {
	return setsFrom(payhooks.GetMigrationsFS())
}

func setsFrom(root fs.FS) ([]Set, error) {
	sets := make([]Set, 0, 2)
	for _, entry := range []struct{ dialect, path string }{
		{DialectPostgres, rootPath},
		{DialectSQLite, sqlitePath},
	} {
		sub, err := fs.Sub(root, entry.path)
		if err != nil {
			return nil, fmt.Errorf("migrations: open %s: %w", entry.path, err)
		}
		versions, err := versionsOf(sub)
		if err != nil {
			return nil, fmt.Errorf("migrations: %s: %w", entry.dialect, err)
		}
		sets = append(sets, Set{Dialect: entry.dialect, Path: entry.path, FS: sub, Versions: versions})
	}
	return sets, nil
}

// Register passes the requested dialects to fn, in version order. With no
// dialects every embedded set is registered.
func Register(ctx context.Context, fn RegisterFunc, dialects ...string) ([]Set, error) {
	if fn == nil {
		return nil, fmt.Errorf("migrations: register function is required")
	}
	sets, err := Sets()
	if err != nil {
		return nil, err
	}
	wanted := normalizeDialects(dialects)
	registered := make([]Set, 0, len(sets))
	for _, set := range sets {
		if len(wanted) > 0 && !slices.Contains(wanted, set.Dialect) {
			continue
		}
		if err := fn(ctx, set); err != nil {
			return registered, fmt.Errorf("migrations: register %s: %w", set.Dialect, err)
		}
		registered = append(registered, set)
	}
	for _, dialect := range wanted {
		if !slices.ContainsFunc(registered, func(set Set) bool { return set.Dialect == dialect }) {
			return registered, fmt.Errorf("migrations: unknown dialect %q", dialect)
		}
	}
	return registered, nil
}

func versionsOf(fsys fs.FS) ([]string, error) {
	ups, err := fs.Glob(fsys, "*.up.sql")
	if err != nil {
		return nil, err
	}
	if len(ups) == 0 {
		return nil, fmt.Errorf("no *.up.sql files")
	}
	versions := make([]string, 0, len(ups))
	for _, up := range ups {
		version := strings.TrimSuffix(up, ".up.sql")
		if _, err := fs.Stat(fsys, version+".down.sql"); err != nil {
			return nil, fmt.Errorf("%s has no down migration", version)
		}
		versions = append(versions, version)
	}
	slices.Sort(versions)
	return versions, nil
}

func normalizeDialects(dialects []string) []string {
	out := make([]string, 0, len(dialects))
	for _, dialect := range dialects {
		dialect = strings.ToLower(strings.TrimSpace(dialect))
		if dialect != "" && !slices.Contains(out, dialect) {
			out = append(out, dialect)
		}
	}
	return out
}

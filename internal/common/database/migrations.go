package database

import (
	"context"
	"embed"
	"io/fs"
	"path"
	"sort"
	"strconv"
	"strings"

	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
)

//go:embed migrations/*.sql
var migrationFiles embed.FS

type Migration struct {
	id   int
	name string
	sql  string
}

func NewMigration(id int, name string, sql string) Migration {
	return Migration{id: id, name: name, sql: sql}
}

// JobServerMigrations returns the embedded job server schema migrations.
func JobServerMigrations() ([]Migration, error) {
	return ReadMigrations(migrationFiles, "migrations")
}

func UpdateDatabase(ctx context.Context, db Executor, migrations []Migration) error {
	log.Info("Updating database...")
	version, err := readVersion(ctx, db)
	if err != nil {
		return err
	}
	log.Infof("Current version %v", version)

	for _, m := range migrations {
		if m.id > version {
			for _, statement := range splitStatements(m.sql) {
				if err := db.Exec(ctx, statement); err != nil {
					return errors.WithMessagef(err, "applying migration %s", m.name)
				}
			}

			version = m.id
			err = setVersion(ctx, db, version)
			if err != nil {
				return err
			}
		}
	}
	log.Info("Database updated.")
	return nil
}

func readVersion(ctx context.Context, db Executor) (int, error) {
	err := db.Exec(ctx, `CREATE TABLE IF NOT EXISTS database_version (version INTEGER NOT NULL)`)
	if err != nil {
		return 0, err
	}

	rows, err := db.Query(ctx, `SELECT version FROM database_version`)
	if err != nil {
		return 0, err
	}
	if len(rows) == 0 {
		return 0, db.Exec(ctx, `INSERT INTO database_version (version) VALUES (0)`)
	}
	version, err := strconv.Atoi(rows[0][0])
	return version, errors.WithStack(err)
}

func setVersion(ctx context.Context, db Executor, version int) error {
	return db.Exec(ctx, `UPDATE database_version SET version = `+strconv.Itoa(version))
}

// splitStatements splits a migration on semicolons ending a line, as the sqlite driver runs one
// statement per call.
func splitStatements(sql string) []string {
	var statements []string
	var current strings.Builder
	for _, line := range strings.Split(sql, "\n") {
		trimmed := strings.TrimSpace(line)
		if trimmed == "" || strings.HasPrefix(trimmed, "--") {
			continue
		}
		current.WriteString(line)
		current.WriteString("\n")
		if strings.HasSuffix(trimmed, ";") {
			statements = append(statements, strings.TrimSpace(current.String()))
			current.Reset()
		}
	}
	if rest := strings.TrimSpace(current.String()); rest != "" {
		statements = append(statements, rest)
	}
	return statements
}

func ReadMigrations(fsys fs.FS, basePath string) ([]Migration, error) {
	files, err := fs.ReadDir(fsys, basePath)
	if err != nil {
		return nil, errors.WithStack(err)
	}

	sort.Slice(files, func(i, j int) bool { return files[i].Name() < files[j].Name() })

	var migrations []Migration
	for _, f := range files {
		if f.IsDir() || !strings.HasSuffix(f.Name(), ".sql") {
			continue
		}
		contents, err := fs.ReadFile(fsys, path.Join(basePath, f.Name()))
		if err != nil {
			return nil, errors.WithStack(err)
		}
		id, err := strconv.Atoi(strings.Split(f.Name(), "_")[0])
		if err != nil {
			return nil, errors.Wrapf(err, "migration %s must start with its numeric id", f.Name())
		}
		migrations = append(migrations, Migration{
			id:   id,
			name: f.Name(),
			sql:  string(contents),
		})
	}
	return migrations, nil
}

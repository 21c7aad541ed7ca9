package database

import (
	"context"
	"database/sql"
	"os"
	"path/filepath"
	"strings"

	"github.com/doug-martin/goqu/v9"
	// register the dialects used to render statements
	_ "github.com/doug-martin/goqu/v9/dialect/postgres"
	_ "github.com/doug-martin/goqu/v9/dialect/sqlite3"
	_ "github.com/jackc/pgx/v4/stdlib"
	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
	_ "modernc.org/sqlite"
)

// Executor runs fully rendered statements. Every value in a statement must already be escaped,
// which goqu does for non prepared statements.
type Executor interface {
	Exec(ctx context.Context, statement string) error
	// Query returns every row as a slice of column values rendered as strings; NULL becomes "".
	Query(ctx context.Context, statement string) ([][]string, error)
}

type Database interface {
	Executor
	// Dialect renders statements for the underlying database.
	Dialect() goqu.DialectWrapper
	// WithTx runs action inside a single transaction.
	WithTx(ctx context.Context, action func(Executor) error) error
	Close() error
}

type queryer interface {
	ExecContext(ctx context.Context, query string, args ...interface{}) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...interface{}) (*sql.Rows, error)
}

type SqlDatabase struct {
	db      *sql.DB
	dialect goqu.DialectWrapper
}

type sqlExecutor struct {
	q queryer
}

// OpenSqlite opens (creating if needed) the sqlite database at path.
func OpenSqlite(path string) (*SqlDatabase, error) {
	if path != ":memory:" {
		dbDir := filepath.Dir(path)
		if _, err := os.Stat(dbDir); os.IsNotExist(err) {
			if errMkDir := os.MkdirAll(dbDir, 0o755); errMkDir != nil {
				return nil, errors.Wrapf(errMkDir, "could not make directory at %s for sqlite db", dbDir)
			}
		}
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, errors.Wrapf(err, "error opening sqlite DB from %s", path)
	}
	// A single connection serialises writers and keeps in memory databases alive.
	db.SetMaxOpenConns(1)
	if _, err := db.Exec("PRAGMA foreign_keys = ON"); err != nil {
		_ = db.Close()
		return nil, errors.WithStack(err)
	}
	return &SqlDatabase{db: db, dialect: goqu.Dialect("sqlite3")}, nil
}

// OpenPostgres connects through the pgx stdlib driver.
func OpenPostgres(config PostgresConfig) (*SqlDatabase, error) {
	db, err := sql.Open("pgx", CreateConnectionString(config.Connection))
	if err != nil {
		return nil, errors.WithStack(err)
	}
	db.SetMaxOpenConns(config.PoolMaxOpenConns)
	db.SetMaxIdleConns(config.PoolMaxIdleConns)
	db.SetConnMaxLifetime(config.PoolMaxConnLifetime)
	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, errors.WithStack(err)
	}
	return &SqlDatabase{db: db, dialect: goqu.Dialect("postgres")}, nil
}

func Open(databaseType string, path string, postgres PostgresConfig) (*SqlDatabase, error) {
	switch strings.ToLower(databaseType) {
	case "sqlite":
		return OpenSqlite(path)
	case "postgres":
		return OpenPostgres(postgres)
	default:
		return nil, errors.Errorf("unsupported database type %q", databaseType)
	}
}

func (d *SqlDatabase) Dialect() goqu.DialectWrapper {
	return d.dialect
}

func (d *SqlDatabase) Exec(ctx context.Context, statement string) error {
	return sqlExecutor{q: d.db}.Exec(ctx, statement)
}

func (d *SqlDatabase) Query(ctx context.Context, statement string) ([][]string, error) {
	return sqlExecutor{q: d.db}.Query(ctx, statement)
}

func (d *SqlDatabase) WithTx(ctx context.Context, action func(Executor) error) error {
	tx, err := d.db.BeginTx(ctx, nil)
	if err != nil {
		return errors.WithStack(err)
	}
	if err := action(sqlExecutor{q: tx}); err != nil {
		if rollbackErr := tx.Rollback(); rollbackErr != nil {
			log.WithError(rollbackErr).Warn("Error rolling back transaction")
		}
		return err
	}
	return errors.WithStack(tx.Commit())
}

func (d *SqlDatabase) Close() error {
	return d.db.Close()
}

func (e sqlExecutor) Exec(ctx context.Context, statement string) error {
	log.WithField("statement", statement).Trace("exec")
	_, err := e.q.ExecContext(ctx, statement)
	return errors.Wrapf(err, "executing %q", statement)
}

func (e sqlExecutor) Query(ctx context.Context, statement string) ([][]string, error) {
	log.WithField("statement", statement).Trace("query")
	rows, err := e.q.QueryContext(ctx, statement)
	if err != nil {
		return nil, errors.Wrapf(err, "querying %q", statement)
	}
	defer rows.Close()

	columns, err := rows.Columns()
	if err != nil {
		return nil, errors.WithStack(err)
	}
	var result [][]string
	for rows.Next() {
		values := make([]sql.NullString, len(columns))
		dest := make([]interface{}, len(columns))
		for i := range values {
			dest[i] = &values[i]
		}
		if err := rows.Scan(dest...); err != nil {
			return nil, errors.WithStack(err)
		}
		row := make([]string, len(columns))
		for i, v := range values {
			row[i] = v.String
		}
		result = append(result, row)
	}
	return result, errors.WithStack(rows.Err())
}

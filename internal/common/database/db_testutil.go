package database

import (
	"context"
	"os"
	"path/filepath"

	"github.com/pkg/errors"

	"github.com/G-Research/tms/internal/common/util"
)

// WithTestDb creates a throwaway sqlite database for testing
//  migrations: perform the list of migrations before entering the action callback
//  action: callback for client code
func WithTestDb(migrations []Migration, action func(db Database) error) error {
	ctx := context.Background()

	dir, err := os.MkdirTemp("", "tms-test-")
	if err != nil {
		return errors.WithStack(err)
	}
	defer os.RemoveAll(dir)

	db, err := OpenSqlite(filepath.Join(dir, "test_"+util.NewULID()+".db"))
	if err != nil {
		return err
	}
	defer db.Close()

	err = UpdateDatabase(ctx, db, migrations)
	if err != nil {
		return errors.WithStack(err)
	}

	return action(db)
}

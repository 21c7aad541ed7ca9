package repository

import (
	"context"

	"github.com/doug-martin/goqu/v9"
	"github.com/pkg/errors"
	"k8s.io/utils/clock"

	"github.com/G-Research/tms/internal/common/database"
	"github.com/G-Research/tms/internal/tms/domain"
)

// Fixture describes the users, machine and session rows a test database is seeded with.
type Fixture struct {
	MachineId     string
	MachineName   string
	MachineStatus int
	Sessions      []*domain.UserSession
}

// WithTestRepository runs action against a freshly migrated sqlite database seeded with fixture.
func WithTestRepository(fixture Fixture, jobIdFormat string, clock clock.Clock, action func(db database.Database, repo *SQLJobRepository) error) error {
	migrations, err := database.JobServerMigrations()
	if err != nil {
		return err
	}
	return database.WithTestDb(migrations, func(db database.Database) error {
		if err := InsertFixture(context.Background(), db, fixture); err != nil {
			return err
		}
		return action(db, NewSQLJobRepository(db, jobIdFormat, clock))
	})
}

func InsertFixture(ctx context.Context, db database.Database, fixture Fixture) error {
	d := db.Dialect()
	statements := []*goqu.InsertDataset{
		d.Insert(machineTable).Rows(goqu.Record{
			"nummachineid": 1,
			"machineid":    fixture.MachineId,
			"name":         fixture.MachineName,
			"status":       fixture.MachineStatus,
		}),
	}
	seenUsers := map[int64]bool{}
	for _, s := range fixture.Sessions {
		if !seenUsers[s.NumUser] {
			seenUsers[s.NumUser] = true
			statements = append(statements,
				d.Insert(usersTable).Rows(goqu.Record{
					"numuserid": s.NumUser,
					"userid":    s.UserId,
					"privilege": s.Privilege,
				}),
				d.Insert(goqu.T("account")).Rows(goqu.Record{
					"numaccountid":         s.NumUser,
					"machine_nummachineid": 1,
					"users_numuserid":      s.NumUser,
					"aclogin":              s.Login,
					"home":                 s.Home,
				}))
		}
		statements = append(statements, d.Insert(sessionTable).Rows(goqu.Record{
			"numsessionid":    s.NumSession,
			"vsessionid":      s.SessionId,
			"sessionkey":      s.SessionKey,
			"users_numuserid": s.NumUser,
			"state":           SessionStateActive,
		}))
	}
	for _, ds := range statements {
		statement, _, err := ds.ToSQL()
		if err != nil {
			return errors.WithStack(err)
		}
		if err := db.Exec(ctx, statement); err != nil {
			return err
		}
	}
	return nil
}

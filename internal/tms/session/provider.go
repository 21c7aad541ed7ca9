package session

import (
	"context"
	"strconv"
	"time"

	"github.com/doug-martin/goqu/v9"
	"github.com/patrickmn/go-cache"
	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"

	"github.com/G-Research/tms/internal/common/database"
	"github.com/G-Research/tms/internal/common/tmserrors"
	"github.com/G-Research/tms/internal/tms/domain"
)

const sessionStateActive = 1

// Provider resolves an opaque session key into the identity of its user on a machine.
type Provider interface {
	Authenticate(ctx context.Context, sessionKey string, machineId string) (*domain.UserSession, error)
}

// StaticProvider serves a fixed set of sessions keyed by session key.
type StaticProvider struct {
	Sessions map[string]*domain.UserSession
}

func (p *StaticProvider) Authenticate(_ context.Context, sessionKey string, _ string) (*domain.UserSession, error) {
	s, ok := p.Sessions[sessionKey]
	if !ok {
		return nil, errors.WithStack(&tmserrors.ErrUnauthenticated{Message: "invalid session key"})
	}
	return s, nil
}

// SQLProvider reads sessions from the session tables shared with the user management service.
type SQLProvider struct {
	db    database.Database
	cache *cache.Cache
	ttl   time.Duration
}

func NewSQLProvider(db database.Database, ttl time.Duration) *SQLProvider {
	return &SQLProvider{
		db:    db,
		cache: cache.New(ttl, 2*ttl),
		ttl:   ttl,
	}
}

var (
	sessionTable = goqu.T("vsession")
	usersTable   = goqu.T("users")
	accountTable = goqu.T("account")
	machineTable = goqu.T("machine")
)

func (p *SQLProvider) Authenticate(ctx context.Context, sessionKey string, machineId string) (*domain.UserSession, error) {
	cacheKey := sessionKey + "/" + machineId
	if p.ttl > 0 {
		if cached, found := p.cache.Get(cacheKey); found {
			if s, ok := cached.(*domain.UserSession); ok {
				return s, nil
			}
		}
	}

	query, _, err := p.db.Dialect().From(sessionTable).
		InnerJoin(usersTable, goqu.On(goqu.I("users.numuserid").Eq(goqu.I("vsession.users_numuserid")))).
		InnerJoin(accountTable, goqu.On(goqu.I("account.users_numuserid").Eq(goqu.I("users.numuserid")))).
		InnerJoin(machineTable, goqu.On(goqu.I("machine.nummachineid").Eq(goqu.I("account.machine_nummachineid")))).
		Select(
			goqu.I("vsession.vsessionid"),
			goqu.I("vsession.numsessionid"),
			goqu.I("users.numuserid"),
			goqu.I("users.userid"),
			goqu.I("account.aclogin"),
			goqu.I("account.home"),
			goqu.I("users.privilege"),
			goqu.I("machine.name")).
		Where(
			goqu.I("vsession.sessionkey").Eq(sessionKey),
			goqu.I("vsession.state").Eq(sessionStateActive),
			goqu.I("machine.machineid").Eq(machineId)).
		ToSQL()
	if err != nil {
		return nil, errors.WithStack(err)
	}
	rows, err := p.db.Query(ctx, query)
	if err != nil {
		return nil, err
	}
	if len(rows) == 0 {
		return nil, errors.WithStack(&tmserrors.ErrUnauthenticated{
			Message: "invalid session key or no local account on machine " + machineId,
		})
	}

	row := rows[0]
	s := &domain.UserSession{
		SessionId:   row[0],
		SessionKey:  sessionKey,
		NumSession:  parseInt64(row[1]),
		NumUser:     parseInt64(row[2]),
		UserId:      row[3],
		Login:       row[4],
		Home:        row[5],
		Privilege:   int(parseInt64(row[6])),
		MachineName: row[7],
	}
	log.WithField("sessionId", s.SessionId).Debugf("Authenticated %s as %s", s.UserId, s.Login)

	if p.ttl > 0 {
		p.cache.Set(cacheKey, s, cache.DefaultExpiration)
	}
	return s, nil
}

func parseInt64(value string) int64 {
	i, _ := strconv.ParseInt(value, 10, 64)
	return i
}

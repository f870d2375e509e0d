package app

import (
	"context"
	"reflect"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/sirupsen/logrus"

	"querydesk/api/internal/auth"
	"querydesk/api/internal/bus"
	"querydesk/api/internal/config"
	"querydesk/api/internal/query"
	"querydesk/api/internal/querystore"
	"querydesk/api/internal/rbac"
	"querydesk/api/internal/search"
	"querydesk/api/internal/store"
)

// Session is the caller identity carried by a verified bearer token.
type Session struct {
	UserID   string
	UserName string
	Team     query.Team
	Branches []string
}

func (s Session) Actor() string {
	if s.UserName != "" {
		return s.UserName
	}
	return s.UserID
}

type queryStore interface {
	Ping(ctx context.Context) error
	NextQueryNumber(ctx context.Context) int64
	Write(ctx context.Context, group query.QueryGroup) (querystore.WriteResult, error)
	Get(ctx context.Context, groupID int64) (query.QueryGroup, error)
	List(ctx context.Context, filter query.Filter) ([]query.QueryGroup, error)
	Resolve(ctx context.Context, raw any, original any) (query.Match, error)
	Mutate(ctx context.Context, groupID int64, fn func(*query.QueryGroup) error) (query.QueryGroup, querystore.WriteResult, error)
}

type updateBus interface {
	Publish(ctx context.Context, e bus.Event) (bus.Event, error)
	Subscribe(team query.Team) *bus.Subscription
	Since(ctx context.Context, team query.Team, since time.Time, limit int) ([]bus.Event, error)
	Latest(ctx context.Context, team query.Team, device string) (bus.Marker, bool, error)
}

// referenceData resolves an application number to customer and branch.
type referenceData interface {
	LookupApplication(ctx context.Context, appNo string) (store.Application, error)
}

type searcher interface {
	Search(ctx context.Context, q search.Query) search.Response
	IndexGroup(group query.QueryGroup)
}

// Deps collects the collaborators of a Service. Search and Reference may be
// nil.
type Deps struct {
	Queries   queryStore
	Bus       updateBus
	Search    searcher
	Reference referenceData
	Branches  query.Directory
	Logger    logrus.FieldLogger
}

type Service struct {
	cfg       config.Config
	queries   queryStore
	bus       updateBus
	search    searcher
	reference referenceData
	branches  query.Directory
	validate  *validator.Validate
	logger    logrus.FieldLogger
	now       func() time.Time
}

func New(cfg config.Config, deps Deps) *Service {
	logger := deps.Logger
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	return &Service{
		cfg:       cfg,
		queries:   deps.Queries,
		bus:       deps.Bus,
		search:    deps.Search,
		reference: deps.Reference,
		branches:  deps.Branches,
		validate:  newValidator(),
		logger:    logger.WithField("component", "app"),
		now:       time.Now,
	}
}

// newValidator reports fields by their JSON names.
func newValidator() *validator.Validate {
	v := validator.New()
	v.RegisterTagNameFunc(func(field reflect.StructField) string {
		name := strings.SplitN(field.Tag.Get("json"), ",", 2)[0]
		if name == "-" || name == "" {
			return field.Name
		}
		return name
	})
	return v
}

func (s *Service) SessionFromToken(_ context.Context, token string) (Session, error) {
	claims, err := auth.ParseToken([]byte(s.cfg.JWTSecret), token)
	if err != nil {
		return Session{}, err
	}
	return Session{
		UserID:   claims.Sub,
		UserName: claims.Actor(),
		Team:     claims.Team,
		Branches: claims.Branches,
	}, nil
}

func (s *Service) Can(team query.Team, action rbac.Action) bool {
	return rbac.Can(team, action)
}

func (s *Service) Ping(ctx context.Context) error {
	return s.queries.Ping(ctx)
}

// visible applies the caller's branch scope and team routing. requested
// branches can only narrow what the token already grants.
func (s *Service) visible(session Session, groups []query.QueryGroup, requested []string) []query.QueryGroup {
	out := query.Visible(groups, session.Team, session.Branches, s.branches)
	if len(requested) > 0 {
		out = query.Visible(out, session.Team, requested, s.branches)
	}
	return out
}

func (s *Service) canView(session Session, group query.QueryGroup) bool {
	return query.CanView(group, session.Team, session.Branches, s.branches)
}

func (s *Service) publish(ctx context.Context, e bus.Event) {
	if s.bus == nil {
		return
	}
	// Delivery failures are logged by the bus and never undo the write.
	_, _ = s.bus.Publish(ctx, e)
}

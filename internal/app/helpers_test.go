package app

import (
	"context"
	"database/sql"
	"errors"
	"sort"
	"sync"
	"testing"
	"time"

	logtest "github.com/sirupsen/logrus/hooks/test"

	"querydesk/api/internal/auth"
	"querydesk/api/internal/bus"
	"querydesk/api/internal/config"
	"querydesk/api/internal/query"
	"querydesk/api/internal/querystore"
	"querydesk/api/internal/sanction"
	"querydesk/api/internal/store"
)

const testSecret = "test-secret"

var errDown = errors.New("connection refused")

// memDurable is an in-memory durable backend that can be switched off.
type memDurable struct {
	mu     sync.Mutex
	groups map[int64]query.QueryGroup
	down   bool
}

func newMemDurable() *memDurable {
	return &memDurable{groups: map[int64]query.QueryGroup{}}
}

func (m *memDurable) setDown(down bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.down = down
}

func (m *memDurable) Ping(context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.down {
		return errDown
	}
	return nil
}

func (m *memDurable) MaxQueryNumber(context.Context) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.down {
		return 0, errDown
	}
	var maxID int64
	for id := range m.groups {
		if id > maxID {
			maxID = id
		}
	}
	return maxID, nil
}

func (m *memDurable) SaveGroup(_ context.Context, group query.QueryGroup) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.down {
		return errDown
	}
	m.groups[group.GroupID] = group.Clone()
	return nil
}

func (m *memDurable) GetGroup(_ context.Context, groupID int64) (query.QueryGroup, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.down {
		return query.QueryGroup{}, errDown
	}
	group, ok := m.groups[groupID]
	if !ok {
		return query.QueryGroup{}, sql.ErrNoRows
	}
	return group.Clone(), nil
}

func (m *memDurable) FindGroupByItemID(_ context.Context, itemID string) (query.QueryGroup, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.down {
		return query.QueryGroup{}, errDown
	}
	for _, group := range m.groups {
		if group.ItemIndex(itemID) >= 0 {
			return group.Clone(), nil
		}
	}
	return query.QueryGroup{}, sql.ErrNoRows
}

func (m *memDurable) ListGroups(_ context.Context, filter query.Filter) ([]query.QueryGroup, error) {
	return m.list(filter.Match)
}

func (m *memDurable) ListGroupsByAppNo(_ context.Context, appNo string) ([]query.QueryGroup, error) {
	return m.list(func(group query.QueryGroup) bool { return group.AppNo == appNo })
}

func (m *memDurable) list(match func(query.QueryGroup) bool) ([]query.QueryGroup, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.down {
		return nil, errDown
	}
	out := []query.QueryGroup{}
	for _, group := range m.groups {
		if match(group) {
			out = append(out, group.Clone())
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].GroupID > out[j].GroupID })
	return out, nil
}

type fakeRegistry struct {
	mu    sync.Mutex
	cases map[string]bool
}

func (f *fakeRegistry) DeleteSanctionedCase(_ context.Context, appNo string) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if !f.cases[appNo] {
		return false, nil
	}
	delete(f.cases, appNo)
	return true, nil
}

func (f *fakeRegistry) has(appNo string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.cases[appNo]
}

type fakeReference struct {
	lookupFn func(context.Context, string) (store.Application, error)
}

func (f fakeReference) LookupApplication(ctx context.Context, appNo string) (store.Application, error) {
	if f.lookupFn != nil {
		return f.lookupFn(ctx, appNo)
	}
	return store.Application{}, sql.ErrNoRows
}

type testEnv struct {
	durable  *memDurable
	queries  *querystore.Store
	bus      *bus.Bus
	replay   *bus.MemoryReplayLog
	registry *fakeRegistry
	service  *Service
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	logger, _ := logtest.NewNullLogger()
	durable := newMemDurable()
	queries := querystore.New(durable, logger)
	replay := bus.NewMemoryReplayLog()
	updates := bus.New(bus.NewLive(32), replay, bus.NewMemorySignal(time.Minute), logger)
	registry := &fakeRegistry{cases: map[string]bool{"GGN100": true}}
	updates.AddConsumer(sanction.NewReconciler(queries, registry, updates, logger))

	reference := fakeReference{lookupFn: func(_ context.Context, appNo string) (store.Application, error) {
		if appNo == "GGN100" {
			return store.Application{AppNo: appNo, CustomerName: "Asha Rao", Branch: "Gurgaon", BranchCode: "GGN"}, nil
		}
		return store.Application{}, sql.ErrNoRows
	}}

	svc := New(config.Config{JWTSecret: testSecret, PollLimit: 50}, Deps{
		Queries:   queries,
		Bus:       updates,
		Reference: reference,
		Branches:  query.NewDirectory([]query.Branch{{Name: "Gurgaon", Code: "GGN"}, {Name: "Pune", Code: "PNQ"}}),
		Logger:    logger,
	})
	return &testEnv{durable: durable, queries: queries, bus: updates, replay: replay, registry: registry, service: svc}
}

func opsSession() Session {
	return Session{UserID: "u-ops", UserName: "Olivia", Team: query.TeamOperations}
}

func salesSession(branches ...string) Session {
	return Session{UserID: "u-sales", UserName: "Sam", Team: query.TeamSales, Branches: branches}
}

func tokenFor(t *testing.T, team query.Team, branches ...string) string {
	t.Helper()
	token, err := auth.IssueToken([]byte(testSecret), auth.Claims{
		Sub:      "user-" + string(team),
		Name:     string(team) + " user",
		Team:     team,
		Branches: branches,
		Exp:      time.Now().Add(time.Hour).Unix(),
	})
	if err != nil {
		t.Fatalf("IssueToken: %v", err)
	}
	return token
}

func eventsFor(t *testing.T, env *testEnv, team query.Team) []bus.Event {
	t.Helper()
	events, err := env.replay.Since(context.Background(), team, time.Time{}, 100)
	if err != nil {
		t.Fatalf("Since(%s): %v", team, err)
	}
	return events
}

func countAction(events []bus.Event, action bus.Action) int {
	n := 0
	for _, e := range events {
		if e.Action == action {
			n++
		}
	}
	return n
}

func domainStatus(t *testing.T, err error) int {
	t.Helper()
	var de *DomainError
	if !errors.As(err, &de) {
		t.Fatalf("expected DomainError, got %v", err)
	}
	return de.Status
}

// Package querystore is the single entry point for reading and writing query
// groups. It fronts the durable store with an in-process cache that keeps
// serving when Postgres is unreachable.
package querystore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/sirupsen/logrus"
	"golang.org/x/sync/singleflight"

	"querydesk/api/internal/config"
	"querydesk/api/internal/query"
)

const (
	SourceDurable = "durable"
	SourceCache   = "cache"
)

var (
	ErrUnavailable = errors.New("durable store unavailable")
	// ErrNumberTaken reports a number issued before seeding that the durable
	// store already uses.
	ErrNumberTaken = errors.New("query number already taken")
)

// noKey marks calls made without holding any group lock. Group ids start
// at 1.
const noKey int64 = 0

// Durable is the persistent backend. Missing rows are reported as
// sql.ErrNoRows.
type Durable interface {
	Ping(ctx context.Context) error
	MaxQueryNumber(ctx context.Context) (int64, error)
	SaveGroup(ctx context.Context, group query.QueryGroup) error
	GetGroup(ctx context.Context, groupID int64) (query.QueryGroup, error)
	FindGroupByItemID(ctx context.Context, itemID string) (query.QueryGroup, error)
	ListGroups(ctx context.Context, filter query.Filter) ([]query.QueryGroup, error)
	ListGroupsByAppNo(ctx context.Context, appNo string) ([]query.QueryGroup, error)
}

// WriteResult tells the caller whether the write only reached the cache and
// under which group id it was stored.
type WriteResult struct {
	Degraded bool
	GroupID  int64
}

type Store struct {
	durable Durable
	cache   *cache
	locks   *keyedMutex
	logger  logrus.FieldLogger

	counter atomic.Int64
	seeded  atomic.Bool
	seedMax atomic.Int64

	// provisional holds numbers handed out before the counter was seeded.
	provMu      sync.Mutex
	provisional map[int64]struct{}

	hydrated atomic.Bool
	flight   singleflight.Group
}

// New builds a store. A nil durable runs cache-only and every write is
// reported as degraded.
func New(durable Durable, logger logrus.FieldLogger) *Store {
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	return &Store{
		durable:     durable,
		cache:       newCache(),
		locks:       newKeyedMutex(),
		logger:      logger.WithField("component", "querystore"),
		provisional: map[int64]struct{}{},
	}
}

func (s *Store) Ping(ctx context.Context) error {
	if s.durable == nil {
		return ErrUnavailable
	}
	if err := s.durable.Ping(ctx); err != nil {
		return fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	return nil
}

// NextQueryNumber hands out the next value of the shared group id and query
// number counter. The counter is seeded from the durable maximum the first
// time that read succeeds and never moves backwards. Numbers issued before
// that are provisional and may be replaced when the group is first stored.
func (s *Store) NextQueryNumber(ctx context.Context) int64 {
	seeded := s.ensureSeeded(ctx)
	number := s.counter.Add(1)
	if !seeded {
		s.provMu.Lock()
		s.provisional[number] = struct{}{}
		s.provMu.Unlock()
	}
	return number
}

// ensureSeeded reports whether the counter is past the durable maximum.
func (s *Store) ensureSeeded(ctx context.Context) bool {
	if s.seeded.Load() {
		return true
	}
	_, _, _ = s.flight.Do("seed", func() (any, error) {
		if s.seeded.Load() {
			return nil, nil
		}
		s.raiseCounter(s.cache.maxNumber())
		if s.durable == nil {
			s.seeded.Store(true)
			return nil, nil
		}
		maxValue, err := s.durable.MaxQueryNumber(ctx)
		if err != nil {
			degradedTotal.WithLabelValues("seed").Inc()
			s.logger.WithError(err).Warn("seed counter from durable store failed; continuing in-process")
			return nil, err
		}
		s.raiseCounter(maxValue)
		s.seedMax.Store(maxValue)
		s.seeded.Store(true)
		return nil, nil
	})
	return s.seeded.Load()
}

// settleNumber gives a provisional group a fresh number when its own one is
// within the durable range. It fails with ErrUnavailable while the counter
// still cannot be seeded.
func (s *Store) settleNumber(ctx context.Context, group *query.QueryGroup) error {
	s.provMu.Lock()
	_, pending := s.provisional[group.GroupID]
	s.provMu.Unlock()
	if !pending {
		return nil
	}
	if !s.ensureSeeded(ctx) {
		return ErrUnavailable
	}
	s.provMu.Lock()
	delete(s.provisional, group.GroupID)
	s.provMu.Unlock()
	if group.GroupID > s.seedMax.Load() {
		return nil
	}

	previous := group.GroupID
	group.Renumber(s.counter.Add(1))
	degradedTotal.WithLabelValues("renumber").Inc()
	config.LogError(s.logger, "querystore", "renumber", logrus.Fields{
		"from":  previous,
		"to":    group.GroupID,
		"appNo": group.AppNo,
	}, fmt.Errorf("group %d: %w", previous, ErrNumberTaken))
	return nil
}

func (s *Store) raiseCounter(value int64) {
	for {
		current := s.counter.Load()
		if value <= current || s.counter.CompareAndSwap(current, value) {
			return
		}
	}
}

// Write persists the group durably and mirrors it into the cache. A durable
// failure is absorbed: the cache still takes the write and the result is
// marked degraded.
func (s *Store) Write(ctx context.Context, group query.QueryGroup) (WriteResult, error) {
	return s.write(ctx, &group, noKey)
}

func (s *Store) write(ctx context.Context, group *query.QueryGroup, held int64) (WriteResult, error) {
	if len(group.Items) == 0 {
		return WriteResult{}, fmt.Errorf("write group %d: %w", group.GroupID, query.ErrEmptyGroup)
	}
	s.ensureHydrated(ctx)
	s.raiseCounter(group.GroupID)

	if s.durable == nil {
		s.cache.put(*group, true)
		return WriteResult{Degraded: true, GroupID: group.GroupID}, nil
	}

	s.flushDirty(ctx, held)
	previous := group.GroupID
	err := s.settleNumber(ctx, group)
	if err == nil {
		if group.GroupID != previous {
			s.cache.dropDirty(previous)
		}
		err = s.durable.SaveGroup(ctx, *group)
	}
	if err != nil {
		degradedTotal.WithLabelValues("write").Inc()
		s.logger.WithFields(logrus.Fields{
			"groupId": group.GroupID,
			"appNo":   group.AppNo,
			"error":   err.Error(),
		}).Warn("durable write failed; kept in cache")
		s.cache.put(*group, true)
		return WriteResult{Degraded: true, GroupID: group.GroupID}, nil
	}
	s.cache.put(*group, false)
	return WriteResult{GroupID: group.GroupID}, nil
}

// Get reads one group, durable first. When both paths miss the error wraps
// query.ErrNotFound, plus ErrUnavailable if the durable read failed.
func (s *Store) Get(ctx context.Context, groupID int64) (query.QueryGroup, error) {
	return s.get(ctx, groupID, noKey)
}

func (s *Store) get(ctx context.Context, groupID int64, held int64) (query.QueryGroup, error) {
	s.ensureHydrated(ctx)
	var durableErr error
	if s.durable != nil {
		s.flushDirty(ctx, held)
		group, err := s.durable.GetGroup(ctx, groupID)
		switch {
		case err == nil:
			s.cache.put(group, false)
			return group, nil
		case errors.Is(err, sql.ErrNoRows):
		default:
			durableErr = err
			degradedTotal.WithLabelValues("read").Inc()
			s.logger.WithFields(logrus.Fields{"groupId": groupID, "error": err.Error()}).Warn("durable read failed; serving cache")
		}
	}

	if group, ok := s.cache.get(groupID); ok {
		cacheHitsTotal.WithLabelValues("get").Inc()
		return group, nil
	}
	if durableErr != nil {
		return query.QueryGroup{}, fmt.Errorf("group %d: %w: %w", groupID, query.ErrNotFound, fmt.Errorf("%w: %v", ErrUnavailable, durableErr))
	}
	return query.QueryGroup{}, fmt.Errorf("group %d: %w", groupID, query.ErrNotFound)
}

// List returns groups matching filter. Groups only the cache knows about
// (written while degraded and not yet flushed) are merged in.
func (s *Store) List(ctx context.Context, filter query.Filter) ([]query.QueryGroup, error) {
	s.ensureHydrated(ctx)
	if s.durable != nil {
		s.flushDirty(ctx, noKey)
		groups, err := s.durable.ListGroups(ctx, filter)
		if err == nil {
			s.cache.putAll(groups)
			seen := make(map[int64]struct{}, len(groups))
			for _, group := range groups {
				seen[group.GroupID] = struct{}{}
			}
			for _, pending := range s.cache.dirtyGroups() {
				if _, ok := seen[pending.GroupID]; !ok && filter.Match(pending) {
					groups = append(groups, pending)
				}
			}
			sortGroups(groups)
			return groups, nil
		}
		degradedTotal.WithLabelValues("read").Inc()
		s.logger.WithError(err).Warn("durable list failed; serving cache")
	}
	cacheHitsTotal.WithLabelValues("list").Inc()
	return s.cache.list(filter.Match), nil
}

// GroupsForApp loads every group sharing an application number.
func (s *Store) GroupsForApp(ctx context.Context, appNo string) ([]query.QueryGroup, string, error) {
	s.ensureHydrated(ctx)
	if s.durable != nil {
		s.flushDirty(ctx, noKey)
		groups, err := s.durable.ListGroupsByAppNo(ctx, appNo)
		if err == nil {
			s.cache.putAll(groups)
			seen := make(map[int64]struct{}, len(groups))
			for _, group := range groups {
				seen[group.GroupID] = struct{}{}
			}
			for _, pending := range s.cache.dirtyGroups() {
				if _, ok := seen[pending.GroupID]; !ok && pending.AppNo == appNo {
					groups = append(groups, pending)
				}
			}
			return groups, SourceDurable, nil
		}
		degradedTotal.WithLabelValues("read").Inc()
		s.logger.WithFields(logrus.Fields{"appNo": appNo, "error": err.Error()}).Warn("durable app lookup failed; serving cache")
	}
	cacheHitsTotal.WithLabelValues("app").Inc()
	return s.cache.list(func(group query.QueryGroup) bool { return group.AppNo == appNo }), SourceCache, nil
}

// Resolve maps a caller identifier and optional original-id hint to a living
// group, durable indexes first and the cache second.
func (s *Store) Resolve(ctx context.Context, raw any, original any) (query.Match, error) {
	s.ensureHydrated(ctx)
	if s.durable != nil {
		s.flushDirty(ctx, noKey)
	}
	indexes := make([]query.Index, 0, 2)
	if s.durable != nil {
		indexes = append(indexes, durableIndex{durable: s.durable})
	}
	indexes = append(indexes, cacheIndex{cache: s.cache})

	match, err := query.Reconcile(ctx, query.Candidates(raw, original), indexes...)
	if err != nil {
		var nf *query.NotFoundError
		if errors.As(err, &nf) && nf.Cause != nil {
			degradedTotal.WithLabelValues("resolve").Inc()
			s.logger.WithError(nf.Cause).Warn("identity lookup hit durable errors")
		}
		return query.Match{}, err
	}
	switch match.Source {
	case SourceDurable:
		if !s.cache.isDirty(match.Group.GroupID) {
			s.cache.put(match.Group, false)
		}
	case SourceCache:
		cacheHitsTotal.WithLabelValues("resolve").Inc()
	}
	return match, nil
}

// Mutate runs a read-modify-write on one group while holding its key lock.
// fn receives a fresh copy and the result is written back through Write.
// A provisional group that gets renumbered on flush is followed to its new id.
func (s *Store) Mutate(ctx context.Context, groupID int64, fn func(*query.QueryGroup) error) (query.QueryGroup, WriteResult, error) {
	unlock := s.locks.Lock(groupID)
	defer unlock()

	held := groupID
	if s.durable != nil && s.cache.isDirty(groupID) {
		if stored, _ := s.flushOne(ctx, groupID, held); stored != noKey && stored != groupID {
			unlockMoved := s.locks.Lock(stored)
			defer unlockMoved()
			groupID = stored
			held = stored
		}
	}

	group, err := s.get(ctx, groupID, held)
	if err != nil {
		return query.QueryGroup{}, WriteResult{}, err
	}
	if err := fn(&group); err != nil {
		return query.QueryGroup{}, WriteResult{}, err
	}
	result, err := s.write(ctx, &group, held)
	if err != nil {
		return query.QueryGroup{}, WriteResult{}, err
	}
	return group, result, nil
}

// ensureHydrated loads the durable contents into the cache once. A failed
// load is retried on the next access.
func (s *Store) ensureHydrated(ctx context.Context) {
	if s.hydrated.Load() || s.durable == nil {
		return
	}
	_, _, _ = s.flight.Do("hydrate", func() (any, error) {
		if s.hydrated.Load() {
			return nil, nil
		}
		groups, err := s.durable.ListGroups(ctx, query.Filter{})
		if err != nil {
			degradedTotal.WithLabelValues("hydrate").Inc()
			s.logger.WithError(err).Warn("cache hydration failed")
			return nil, err
		}
		s.cache.putAll(groups)
		s.hydrated.Store(true)
		s.logger.WithField("groups", len(groups)).Info("cache hydrated")
		return nil, nil
	})
}

// flushDirty retries durable writes for groups that were only cached. held
// is the key the caller already locks; other keys are skipped when busy.
// It stops at the first failure since the backend is evidently still down.
func (s *Store) flushDirty(ctx context.Context, held int64) {
	for _, pending := range s.cache.dirtyGroups() {
		if _, err := s.flushOne(ctx, pending.GroupID, held); err != nil {
			return
		}
	}
}

// flushOne writes one dirty group and returns the id it now lives under, or
// noKey when there was nothing to flush.
func (s *Store) flushOne(ctx context.Context, groupID, held int64) (int64, error) {
	if groupID != held {
		unlock, ok := s.locks.TryLock(groupID)
		if !ok {
			return noKey, nil
		}
		defer unlock()
	}
	if !s.cache.isDirty(groupID) {
		return noKey, nil
	}
	group, ok := s.cache.get(groupID)
	if !ok {
		return noKey, nil
	}
	if err := s.settleNumber(ctx, &group); err != nil {
		return groupID, err
	}
	if group.GroupID != groupID {
		s.cache.dropDirty(groupID)
		s.cache.put(group, true)
	}
	if err := s.durable.SaveGroup(ctx, group); err != nil {
		return group.GroupID, err
	}
	s.cache.put(group, false)
	s.logger.WithField("groupId", group.GroupID).Info("flushed degraded write")
	return group.GroupID, nil
}

type durableIndex struct {
	durable Durable
}

func (i durableIndex) Name() string { return SourceDurable }

func (i durableIndex) FindByItemID(ctx context.Context, itemID string) (query.QueryGroup, bool, error) {
	group, err := i.durable.FindGroupByItemID(ctx, itemID)
	return found(group, err)
}

func (i durableIndex) FindByGroupID(ctx context.Context, groupID int64) (query.QueryGroup, bool, error) {
	group, err := i.durable.GetGroup(ctx, groupID)
	return found(group, err)
}

func found(group query.QueryGroup, err error) (query.QueryGroup, bool, error) {
	if errors.Is(err, sql.ErrNoRows) {
		return query.QueryGroup{}, false, nil
	}
	if err != nil {
		return query.QueryGroup{}, false, err
	}
	return group, true, nil
}

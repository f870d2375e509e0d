package search

import (
	"context"

	"github.com/sirupsen/logrus"

	"querydesk/api/internal/query"
)

const (
	EngineMeili    = "meilisearch"
	EnginePostgres = "postgres"
	EngineNone     = "none"
)

// Indexer pushes group records into the primary index.
type Indexer interface {
	IndexGroups(records []GroupRecord) error
}

// Loader reads every group for a full reindex.
type Loader interface {
	LoadAllRecords(ctx context.Context) ([]GroupRecord, error)
}

// Service tries the primary engine first and falls back to Postgres.
type Service struct {
	primary  Searcher
	indexer  Indexer
	fallback Searcher
	loader   Loader
	logger   logrus.FieldLogger
}

// NewService wires a Meilisearch primary and a Postgres fallback. Either may
// be nil.
func NewService(meili *Meili, pgfts *PgFTS, logger logrus.FieldLogger) *Service {
	s := &Service{logger: componentLogger(logger)}
	if meili != nil {
		s.primary, s.indexer = meili, meili
	}
	if pgfts != nil {
		s.fallback, s.loader = pgfts, pgfts
	}
	return s
}

func newServiceWith(primary Searcher, indexer Indexer, fallback Searcher, loader Loader, logger logrus.FieldLogger) *Service {
	return &Service{primary: primary, indexer: indexer, fallback: fallback, loader: loader, logger: componentLogger(logger)}
}

func componentLogger(logger logrus.FieldLogger) logrus.FieldLogger {
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	return logger.WithField("component", "search")
}

func (s *Service) Search(ctx context.Context, q Query) Response {
	if s.primary != nil && s.primary.Healthy() {
		results, total, err := s.primary.Search(ctx, q)
		if err == nil {
			return Response{Results: nonNil(results), Total: total, Query: q.Text, Engine: EngineMeili}
		}
		s.logger.WithError(err).Warn("primary search failed, falling back to postgres")
	}

	if s.fallback == nil {
		return Response{Results: []Result{}, Query: q.Text, Engine: EngineNone}
	}
	results, total, err := s.fallback.Search(ctx, q)
	if err != nil {
		s.logger.WithError(err).Warn("postgres search failed")
		return Response{Results: []Result{}, Query: q.Text, Engine: EnginePostgres}
	}
	return Response{Results: nonNil(results), Total: total, Query: q.Text, Engine: EnginePostgres}
}

// IndexGroup pushes one group to the primary index without blocking the
// caller.
func (s *Service) IndexGroup(group query.QueryGroup) {
	if s.indexer == nil || s.primary == nil || !s.primary.Healthy() {
		return
	}
	record := RecordFromGroup(group)
	go func() {
		if err := s.indexer.IndexGroups([]GroupRecord{record}); err != nil {
			s.logger.WithError(err).WithField("groupId", record.GroupID).Warn("index group")
		}
	}()
}

// ReindexAllFromPG reindexes every group from PostgreSQL into the primary.
func (s *Service) ReindexAllFromPG(ctx context.Context) {
	if s.indexer == nil || s.loader == nil || s.primary == nil || !s.primary.Healthy() {
		return
	}
	records, err := s.loader.LoadAllRecords(ctx)
	if err != nil {
		s.logger.WithError(err).Warn("reindex load failed")
		return
	}
	if err := s.indexer.IndexGroups(records); err != nil {
		s.logger.WithError(err).Warn("reindex groups")
		return
	}
	s.logger.WithField("groups", len(records)).Info("search index rebuilt")
}

func nonNil(r []Result) []Result {
	if r == nil {
		return []Result{}
	}
	return r
}

package search

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"sync/atomic"
	"time"

	meili "github.com/meilisearch/meilisearch-go"
	"github.com/sirupsen/logrus"
)

const idxQueries = "querydesk_queries"

// Meili implements Searcher via Meilisearch.
type Meili struct {
	client  meili.ServiceManager
	healthy atomic.Bool
	done    chan struct{}
	logger  logrus.FieldLogger
}

// NewMeili creates a Meilisearch client and configures the index. A failed
// initial health check leaves the client unhealthy; the background loop
// picks it up once the server answers.
func NewMeili(url, apiKey string, logger logrus.FieldLogger) *Meili {
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	client := meili.New(url, meili.WithAPIKey(apiKey))

	m := &Meili{
		client: client,
		done:   make(chan struct{}),
		logger: logger.WithField("component", "search.meili"),
	}

	if _, err := client.Health(); err != nil {
		m.logger.WithError(err).WithField("url", url).Warn("meilisearch unavailable")
		m.healthy.Store(false)
	} else {
		m.healthy.Store(true)
		m.configureIndex()
	}

	go m.healthLoop()
	return m
}

func (m *Meili) configureIndex() {
	if _, err := m.client.CreateIndex(&meili.IndexConfig{
		Uid:        idxQueries,
		PrimaryKey: "id",
	}); err != nil {
		m.logger.WithError(err).Debug("create index (may already exist)")
	}

	index := m.client.Index(idxQueries)
	filterable := []interface{}{"appNo", "branchCode", "status"}
	if _, err := index.UpdateFilterableAttributes(&filterable); err != nil {
		m.logger.WithError(err).Warn("update filterable attributes")
	}
	searchable := []string{"appNo", "customerName", "texts"}
	if _, err := index.UpdateSearchableAttributes(&searchable); err != nil {
		m.logger.WithError(err).Warn("update searchable attributes")
	}
}

func (m *Meili) healthLoop() {
	ticker := time.NewTicker(10 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-m.done:
			return
		case <-ticker.C:
			_, err := m.client.Health()
			wasHealthy := m.healthy.Load()
			m.healthy.Store(err == nil)
			if err == nil && !wasHealthy {
				m.logger.Info("meilisearch recovered, reconfiguring index")
				m.configureIndex()
			}
		}
	}
}

// Close stops the background health monitor.
func (m *Meili) Close() {
	close(m.done)
}

func (m *Meili) Healthy() bool {
	return m.healthy.Load()
}

func (m *Meili) Search(_ context.Context, q Query) ([]Result, int, error) {
	if !m.healthy.Load() {
		return nil, 0, fmt.Errorf("meilisearch unhealthy")
	}
	limit := int64(q.Limit)
	if limit <= 0 {
		limit = 20
	}

	resp, err := m.client.MultiSearch(&meili.MultiSearchRequest{
		Queries: []*meili.SearchRequest{{
			IndexUID:              idxQueries,
			Query:                 q.Text,
			Limit:                 limit,
			AttributesToHighlight: []string{"texts"},
			HighlightPreTag:       "<mark>",
			HighlightPostTag:      "</mark>",
		}},
	})
	if err != nil {
		m.healthy.Store(false)
		return nil, 0, fmt.Errorf("meilisearch search: %w", err)
	}

	var results []Result
	total := 0
	for _, sr := range resp.Results {
		total += int(sr.EstimatedTotalHits)
		for _, hit := range sr.Hits {
			if r, ok := hitToResult(hit); ok {
				results = append(results, r)
			}
		}
	}
	return results, total, nil
}

func hitToResult(hit meili.Hit) (Result, bool) {
	groupID, err := strconv.ParseInt(decodeString(hit, "id"), 10, 64)
	if err != nil {
		return Result{}, false
	}
	return Result{
		GroupID:      groupID,
		AppNo:        decodeString(hit, "appNo"),
		CustomerName: decodeString(hit, "customerName"),
		Snippet:      firstHighlighted(hit),
	}, true
}

func decodeString(hit meili.Hit, key string) string {
	raw, ok := hit[key]
	if !ok {
		return ""
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return s
	}
	return ""
}

// firstHighlighted returns the first query text containing a highlight, or
// the first text when nothing was highlighted.
func firstHighlighted(hit meili.Hit) string {
	var fallback []string
	if raw, ok := hit["texts"]; ok {
		_ = json.Unmarshal(raw, &fallback)
	}
	if raw, ok := hit["_formatted"]; ok {
		var formatted struct {
			Texts []string `json:"texts"`
		}
		if err := json.Unmarshal(raw, &formatted); err == nil {
			for _, text := range formatted.Texts {
				if strings.Contains(text, "<mark>") {
					return text
				}
			}
		}
	}
	if len(fallback) > 0 {
		return fallback[0]
	}
	return ""
}

func (m *Meili) IndexGroups(records []GroupRecord) error {
	if len(records) == 0 {
		return nil
	}
	_, err := m.client.Index(idxQueries).AddDocuments(records, nil)
	return err
}

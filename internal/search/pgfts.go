package search

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
)

// PgFTS implements Searcher with ILIKE matching in PostgreSQL. It is the
// fallback when Meilisearch is not configured or unhealthy.
type PgFTS struct {
	db *sql.DB
}

func NewPgFTS(db *sql.DB) *PgFTS {
	return &PgFTS{db: db}
}

// Healthy always returns true; a Postgres outage surfaces as a query error.
func (p *PgFTS) Healthy() bool {
	return true
}

// Search matches appNo, customer name and item text.
func (p *PgFTS) Search(ctx context.Context, q Query) ([]Result, int, error) {
	text := strings.TrimSpace(q.Text)
	if text == "" {
		return nil, 0, nil
	}
	limit := q.Limit
	if limit <= 0 {
		limit = 20
	}
	pattern := "%" + escapeLike(text) + "%"

	const where = `
		g.app_no ILIKE $1
		OR g.customer_name ILIKE $1
		OR EXISTS (SELECT 1 FROM query_items i WHERE i.group_id = g.group_id AND i.text ILIKE $1)`

	var total int
	if err := p.db.QueryRowContext(ctx, `SELECT count(*) FROM query_groups g WHERE `+where, pattern).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("pgfts count: %w", err)
	}

	rows, err := p.db.QueryContext(ctx, `
		SELECT g.group_id, g.app_no, g.customer_name,
			COALESCE((
				SELECT i.text FROM query_items i
				WHERE i.group_id = g.group_id AND i.text ILIKE $1
				ORDER BY i.position LIMIT 1
			), '') AS snippet
		FROM query_groups g
		WHERE `+where+`
		ORDER BY g.created_at DESC
		LIMIT $2
	`, pattern, limit)
	if err != nil {
		return nil, 0, fmt.Errorf("pgfts query: %w", err)
	}
	defer rows.Close()

	var results []Result
	for rows.Next() {
		var r Result
		if err := rows.Scan(&r.GroupID, &r.AppNo, &r.CustomerName, &r.Snippet); err != nil {
			return nil, 0, fmt.Errorf("pgfts scan: %w", err)
		}
		results = append(results, r)
	}
	return results, total, rows.Err()
}

// LoadAllRecords returns every group as an index record for full reindexing.
func (p *PgFTS) LoadAllRecords(ctx context.Context) ([]GroupRecord, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT g.group_id, g.app_no, g.customer_name, g.branch, g.branch_code, g.status,
			COALESCE(array_to_json(array_agg(i.text ORDER BY i.position) FILTER (WHERE i.text IS NOT NULL)), '[]'::json)::text
		FROM query_groups g
		LEFT JOIN query_items i ON i.group_id = g.group_id
		GROUP BY g.group_id
	`)
	if err != nil {
		return nil, fmt.Errorf("load groups: %w", err)
	}
	defer rows.Close()

	records := make([]GroupRecord, 0)
	for rows.Next() {
		var r GroupRecord
		var texts string
		if err := rows.Scan(&r.GroupID, &r.AppNo, &r.CustomerName, &r.Branch, &r.BranchCode, &r.Status, &texts); err != nil {
			return nil, fmt.Errorf("scan group record: %w", err)
		}
		r.ID = fmt.Sprintf("%d", r.GroupID)
		r.Texts = decodeTexts(texts)
		records = append(records, r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate group records: %w", err)
	}
	return records, nil
}

func decodeTexts(raw string) []string {
	texts := []string{}
	if err := json.Unmarshal([]byte(raw), &texts); err != nil {
		return []string{}
	}
	return texts
}

func escapeLike(value string) string {
	return strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`).Replace(value)
}

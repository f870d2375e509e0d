package bus

import (
	"context"
	"database/sql"
	"fmt"
	"sort"
	"sync"
	"time"

	"querydesk/api/internal/query"
)

// ReplayLog is the time-ordered log polling clients read from. Appending the
// same (subjectId, action, timestamp, team) or the same id twice stores it
// once.
type ReplayLog interface {
	Append(ctx context.Context, e Event) error
	// Since returns events for team strictly newer than since, oldest first.
	// The admin team reads every team's events, one copy per fact. limit is
	// soft: events sharing the last timestamp of a page are never split, so
	// the newest timestamp returned is a safe cursor.
	Since(ctx context.Context, team query.Team, since time.Time, limit int) ([]Event, error)
}

type PostgresReplayLog struct {
	db *sql.DB
}

func NewPostgresReplayLog(db *sql.DB) *PostgresReplayLog {
	return &PostgresReplayLog{db: db}
}

func (p *PostgresReplayLog) Append(ctx context.Context, e Event) error {
	_, err := p.db.ExecContext(ctx, `
		INSERT INTO query_update_events (id, app_no, subject_id, action, status, team, marked_for_team, actor, occurred_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		ON CONFLICT DO NOTHING
	`, e.ID, e.AppNo, e.SubjectID, string(e.Action), string(e.Status), string(e.Team), string(e.MarkedForTeam), e.Actor, e.Timestamp)
	if err != nil {
		return fmt.Errorf("append update event: %w", err)
	}
	return nil
}

func (p *PostgresReplayLog) Since(ctx context.Context, team query.Team, since time.Time, limit int) ([]Event, error) {
	if limit <= 0 {
		limit = 200
	}
	var (
		rows *sql.Rows
		err  error
	)
	const columns = `id, app_no, subject_id, action, status, team, marked_for_team, actor, occurred_at`
	// The page ends at the timestamp of the limit-th row and takes every row
	// at that timestamp.
	if team == query.TeamAdmin {
		rows, err = p.db.QueryContext(ctx, `
			WITH facts AS (
				SELECT DISTINCT ON (subject_id, action, occurred_at) `+columns+`
				FROM query_update_events
				WHERE occurred_at > $1
				ORDER BY subject_id, action, occurred_at, recorded_at
			), page AS (
				SELECT occurred_at FROM facts ORDER BY occurred_at LIMIT $2
			)
			SELECT `+columns+` FROM facts
			WHERE occurred_at <= (SELECT max(occurred_at) FROM page)
			ORDER BY occurred_at, id
		`, since.UTC(), limit)
	} else {
		rows, err = p.db.QueryContext(ctx, `
			WITH page AS (
				SELECT occurred_at FROM query_update_events
				WHERE team = $1 AND occurred_at > $2
				ORDER BY occurred_at
				LIMIT $3
			)
			SELECT `+columns+`
			FROM query_update_events
			WHERE team = $1 AND occurred_at > $2
				AND occurred_at <= (SELECT max(occurred_at) FROM page)
			ORDER BY occurred_at, id
		`, string(team), since.UTC(), limit)
	}
	if err != nil {
		return nil, fmt.Errorf("list update events: %w", err)
	}
	defer rows.Close()

	events := make([]Event, 0)
	for rows.Next() {
		var (
			e                     Event
			action, status        string
			eventTeam, markedTeam string
		)
		if err := rows.Scan(&e.ID, &e.AppNo, &e.SubjectID, &action, &status, &eventTeam, &markedTeam, &e.Actor, &e.Timestamp); err != nil {
			return nil, fmt.Errorf("scan update event: %w", err)
		}
		e.Action = Action(action)
		e.Status = query.Status(status)
		e.Team = query.Team(eventTeam)
		e.MarkedForTeam = query.Team(markedTeam)
		e.Timestamp = e.Timestamp.UTC()
		e.Broadcast = true
		events = append(events, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate update events: %w", err)
	}
	return events, nil
}

// MemoryReplayLog keeps the log in process. Used when no database is
// configured and in tests.
type MemoryReplayLog struct {
	mu     sync.RWMutex
	events []Event
	keys   map[string]struct{}
	ids    map[string]struct{}
}

func NewMemoryReplayLog() *MemoryReplayLog {
	return &MemoryReplayLog{keys: map[string]struct{}{}, ids: map[string]struct{}{}}
}

func (m *MemoryReplayLog) Append(_ context.Context, e Event) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	key := e.DedupKey() + "|" + string(e.Team)
	if _, ok := m.keys[key]; ok {
		return nil
	}
	if _, ok := m.ids[e.ID]; ok && e.ID != "" {
		return nil
	}
	m.keys[key] = struct{}{}
	m.ids[e.ID] = struct{}{}
	m.events = append(m.events, e)
	return nil
}

func (m *MemoryReplayLog) Since(_ context.Context, team query.Team, since time.Time, limit int) ([]Event, error) {
	if limit <= 0 {
		limit = 200
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	seen := map[string]struct{}{}
	out := make([]Event, 0)
	for _, e := range m.events {
		if !e.Timestamp.After(since) {
			continue
		}
		if team != query.TeamAdmin && e.Team != team {
			continue
		}
		if team == query.TeamAdmin {
			if _, dup := seen[e.DedupKey()]; dup {
				continue
			}
			seen[e.DedupKey()] = struct{}{}
		}
		out = append(out, e)
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].Timestamp.Before(out[j].Timestamp) })
	if len(out) > limit {
		end := limit
		last := out[limit-1].Timestamp
		for end < len(out) && out[end].Timestamp.Equal(last) {
			end++
		}
		out = out[:end]
	}
	return out, nil
}

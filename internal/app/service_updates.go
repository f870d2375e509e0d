package app

import (
	"context"
	"fmt"
	"strings"
	"time"

	"querydesk/api/internal/bus"
	"querydesk/api/internal/query"
	"querydesk/api/internal/rbac"
)

type PollResult struct {
	Events []bus.Event `json:"events"`
	// Cursor is the timestamp to pass as since on the next poll.
	Cursor time.Time `json:"cursor"`
}

// updatesTeam picks the team whose feed the caller reads. Only admin may
// read another team's feed.
func (s *Service) updatesTeam(session Session, requested string) (query.Team, error) {
	if !s.Can(session.Team, rbac.ActionRead) {
		return "", forbidden("forbidden")
	}
	team := session.Team
	if raw := strings.TrimSpace(requested); raw != "" {
		team = query.NormalizeTeam(raw)
		if !team.Valid() {
			return "", validationError("unknown team", map[string]string{"team": raw})
		}
	}
	if team != session.Team && session.Team != query.TeamAdmin {
		return "", forbidden(fmt.Sprintf("%s cannot read %s updates", session.Team, team))
	}
	return team, nil
}

// PollUpdates reads the replay log for events strictly newer than since.
func (s *Service) PollUpdates(ctx context.Context, session Session, team string, since time.Time, limit int) (PollResult, error) {
	target, err := s.updatesTeam(session, team)
	if err != nil {
		return PollResult{}, err
	}
	if limit <= 0 || (s.cfg.PollLimit > 0 && limit > s.cfg.PollLimit) {
		limit = s.cfg.PollLimit
	}
	if limit <= 0 {
		limit = 200
	}
	events, err := s.bus.Since(ctx, target, since, limit)
	if err != nil {
		return PollResult{}, fmt.Errorf("poll updates: %w", err)
	}
	cursor := since
	for _, e := range events {
		if e.Timestamp.After(cursor) {
			cursor = e.Timestamp
		}
	}
	if events == nil {
		events = []bus.Event{}
	}
	return PollResult{Events: events, Cursor: cursor}, nil
}

type SignalResult struct {
	Marker *bus.Marker `json:"marker"`
}

// Signal returns the newest cross-session marker for the caller's team or
// device, or a nil marker when nothing recent happened.
func (s *Service) Signal(ctx context.Context, session Session, team, device string) (SignalResult, error) {
	target, err := s.updatesTeam(session, team)
	if err != nil {
		return SignalResult{}, err
	}
	marker, ok, err := s.bus.Latest(ctx, target, strings.TrimSpace(device))
	if err != nil {
		return SignalResult{}, fmt.Errorf("read signal: %w", err)
	}
	if !ok {
		return SignalResult{}, nil
	}
	return SignalResult{Marker: &marker}, nil
}

func (s *Service) Subscribe(session Session, team string) (*bus.Subscription, error) {
	target, err := s.updatesTeam(session, team)
	if err != nil {
		return nil, err
	}
	return s.bus.Subscribe(target), nil
}

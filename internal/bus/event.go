// Package bus fans lifecycle events out to teams through three independent
// layers: an in-process live channel, a durable replay log for polling
// clients and a short-lived cross-session signal.
package bus

import (
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"querydesk/api/internal/query"
)

type Action string

const (
	ActionCreated               Action = "created"
	ActionUpdated               Action = "updated"
	ActionApproved              Action = "approved"
	ActionDeferred              Action = "deferred"
	ActionOTC                   Action = "otc"
	ActionWaived                Action = "waived"
	ActionResolved              Action = "resolved"
	ActionMessageAdded          Action = "message_added"
	ActionSanctionedCaseRemoved Action = "sanctioned_case_removed"
)

// ActionForStatus maps a status change to the event action that announces it.
func ActionForStatus(status query.Status) Action {
	switch status {
	case query.StatusApproved:
		return ActionApproved
	case query.StatusDeferred:
		return ActionDeferred
	case query.StatusOTC:
		return ActionOTC
	case query.StatusWaived:
		return ActionWaived
	case query.StatusResolved:
		return ActionResolved
	default:
		return ActionUpdated
	}
}

// Event is immutable once published. Team is the audience of this copy;
// Audience lists every team a non-broadcast event should be fanned out to.
// Broadcast marks a per-team copy that must not be fanned out again.
type Event struct {
	ID            string       `json:"id"`
	AppNo         string       `json:"appNo"`
	SubjectID     string       `json:"subjectId"`
	Action        Action       `json:"action"`
	Status        query.Status `json:"status,omitempty"`
	Team          query.Team   `json:"team"`
	MarkedForTeam query.Team   `json:"markedForTeam,omitempty"`
	Audience      []query.Team `json:"audience,omitempty"`
	Timestamp     time.Time    `json:"timestamp"`
	Actor         string       `json:"actor,omitempty"`
	Broadcast     bool         `json:"broadcast"`
	// Device identifies the client session that caused the change. It only
	// feeds the cross-session signal and is not persisted.
	Device string `json:"device,omitempty"`
}

// DedupKey identifies the underlying fact. Every per-team copy of one event
// shares it.
func (e Event) DedupKey() string {
	return fmt.Sprintf("%s|%s|%s", e.SubjectID, e.Action, e.Timestamp.UTC().Format(time.RFC3339Nano))
}

// GroupEvent builds an event about a whole group addressed to its routing
// audience.
func GroupEvent(group query.QueryGroup, subjectID string, action Action, status query.Status, actor string) Event {
	if strings.TrimSpace(subjectID) == "" {
		subjectID = fmt.Sprintf("%d", group.GroupID)
	}
	return Event{
		AppNo:         group.AppNo,
		SubjectID:     subjectID,
		Action:        action,
		Status:        status,
		MarkedForTeam: group.MarkedForTeam,
		Audience:      group.Audience(),
		Actor:         actor,
	}
}

// normalize fills the id and timestamp. Timestamps are truncated to
// microseconds so they survive a Postgres round trip unchanged.
func (e Event) normalize(now time.Time) Event {
	if e.ID == "" {
		e.ID = uuid.NewString()
	}
	if e.Timestamp.IsZero() {
		e.Timestamp = now
	}
	e.Timestamp = e.Timestamp.UTC().Truncate(time.Microsecond)
	e.Audience = append([]query.Team(nil), e.Audience...)
	return e
}

func (e Event) audience() []query.Team {
	if len(e.Audience) > 0 {
		return e.Audience
	}
	if e.Team != "" {
		return []query.Team{e.Team}
	}
	return []query.Team{query.TeamOperations}
}

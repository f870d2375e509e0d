package query

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

type Status string

const (
	StatusPending            Status = "pending"
	StatusRequestApproved    Status = "request-approved"
	StatusRequestDeferral    Status = "request-deferral"
	StatusRequestOTC         Status = "request-otc"
	StatusWaitingForApproval Status = "waiting for approval"
	StatusApproved           Status = "approved"
	StatusDeferred           Status = "deferred"
	StatusOTC                Status = "otc"
	StatusWaived             Status = "waived"
	StatusResolved           Status = "resolved"
)

var (
	ErrNotFound          = errors.New("query not found")
	ErrInvalidTransition = errors.New("invalid status transition")
	ErrEmptyGroup        = errors.New("query group has no items")
	ErrUnknownStatus     = errors.New("unknown status")
)

var allStatuses = []Status{
	StatusPending,
	StatusRequestApproved,
	StatusRequestDeferral,
	StatusRequestOTC,
	StatusWaitingForApproval,
	StatusApproved,
	StatusDeferred,
	StatusOTC,
	StatusWaived,
	StatusResolved,
}

// ParseStatus accepts any casing and treats spaces, dashes and underscores
// as equivalent, so "Request_OTC" and "waiting-for-approval" both parse.
func ParseStatus(value string) (Status, error) {
	key := statusKey(value)
	if key == "" {
		return "", fmt.Errorf("%w: empty", ErrUnknownStatus)
	}
	for _, status := range allStatuses {
		if statusKey(string(status)) == key {
			return status, nil
		}
	}
	return "", fmt.Errorf("%w: %q", ErrUnknownStatus, value)
}

func statusKey(value string) string {
	value = strings.ToLower(strings.TrimSpace(value))
	return strings.Map(func(r rune) rune {
		switch r {
		case ' ', '-', '_':
			return -1
		}
		return r
	}, value)
}

func (s Status) IsTerminal() bool {
	switch s {
	case StatusApproved, StatusDeferred, StatusOTC, StatusWaived, StatusResolved:
		return true
	default:
		return false
	}
}

func (s Status) isRequest() bool {
	switch s {
	case StatusRequestApproved, StatusRequestDeferral, StatusRequestOTC, StatusWaitingForApproval:
		return true
	default:
		return false
	}
}

// RequiresApproval reports whether entering s records an approver.
func (s Status) RequiresApproval() bool {
	return s.IsTerminal() && s != StatusResolved
}

// CanTransition encodes the item state machine. Same-state writes are allowed
// so callers can edit fields without moving the item.
func CanTransition(from, to Status) bool {
	if from == "" {
		from = StatusPending
	}
	if from == to {
		return true
	}
	switch {
	case from == StatusPending:
		return to.isRequest() || to.IsTerminal()
	case from.isRequest():
		return to == StatusPending || to.isRequest() || to.IsTerminal()
	case from.IsTerminal():
		return to == StatusPending
	}
	return false
}

// Transition is the caller-supplied part of a status change.
type Transition struct {
	To               Status
	Actor            string
	ResolvedBy       string
	ApprovedBy       string
	ResolutionReason string
	ApproverComment  string
	ProposedAction   string
	At               time.Time
}

// ApplyTransition moves item to t.To and stamps resolution metadata. When
// only one of approvedBy/resolvedBy is supplied it fills the other; when
// neither is supplied the actor is used for both.
func ApplyTransition(item *IndividualQuery, t Transition) error {
	from := item.Status
	if !CanTransition(from, t.To) {
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, displayStatus(from), t.To)
	}
	at := t.At
	if at.IsZero() {
		at = time.Now().UTC()
	}

	item.Status = t.To
	if t.ProposedAction != "" {
		item.ProposedAction = t.ProposedAction
	}
	if t.ApproverComment != "" {
		item.ApproverComment = t.ApproverComment
	}

	switch {
	case t.To == StatusPending:
		clearResolution(item)
		return nil
	case !t.To.IsTerminal():
		return nil
	}

	resolvedBy := firstNonEmpty(t.ResolvedBy, t.ApprovedBy, t.Actor)
	item.ResolvedBy = resolvedBy
	item.ResolvedAt = &at
	if t.ResolutionReason != "" {
		item.ResolutionReason = t.ResolutionReason
	}
	if t.To.RequiresApproval() {
		approvedAt := at
		item.ApprovedBy = firstNonEmpty(t.ApprovedBy, resolvedBy)
		item.ApprovedAt = &approvedAt
		item.ApprovalStatus = string(t.To)
	} else {
		item.ApprovedBy = ""
		item.ApprovedAt = nil
		item.ApprovalStatus = ""
	}
	return nil
}

func clearResolution(item *IndividualQuery) {
	item.ResolvedBy = ""
	item.ResolvedAt = nil
	item.ResolutionReason = ""
	item.ApprovedBy = ""
	item.ApprovedAt = nil
	item.ApprovalStatus = ""
}

func displayStatus(s Status) Status {
	if s == "" {
		return StatusPending
	}
	return s
}

func firstNonEmpty(values ...string) string {
	for _, value := range values {
		if trimmed := strings.TrimSpace(value); trimmed != "" {
			return trimmed
		}
	}
	return ""
}

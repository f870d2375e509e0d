// Package query holds the query-group domain: the item state machine, the
// group rollup rule, identifier reconciliation and the branch access filter.
// Nothing in this package touches storage.
package query

import (
	"strings"
	"time"
)

type Team string

const (
	TeamOperations Team = "operations"
	TeamSales      Team = "sales"
	TeamCredit     Team = "credit"
	TeamAdmin      Team = "admin"
)

// NormalizeTeam lower-cases and trims a team label. Unknown labels are
// returned normalized but unchanged so callers can reject them.
func NormalizeTeam(value string) Team {
	return Team(strings.ToLower(strings.TrimSpace(value)))
}

func (t Team) Valid() bool {
	switch t {
	case TeamOperations, TeamSales, TeamCredit, TeamAdmin:
		return true
	default:
		return false
	}
}

// Unrestricted reports whether the team sees every branch and every routing
// target when it has no branch assignment.
func (t Team) Unrestricted() bool {
	return t == TeamOperations || t == TeamAdmin
}

type IndividualQuery struct {
	ID               string     `json:"id"`
	Text             string     `json:"text"`
	Status           Status     `json:"status"`
	SentTo           Team       `json:"sentTo"`
	QueryNumber      int64      `json:"queryNumber"`
	ProposedAction   string     `json:"proposedAction,omitempty"`
	ResolvedBy       string     `json:"resolvedBy,omitempty"`
	ResolvedAt       *time.Time `json:"resolvedAt,omitempty"`
	ResolutionReason string     `json:"resolutionReason,omitempty"`
	ApproverComment  string     `json:"approverComment,omitempty"`
	ApprovedBy       string     `json:"approvedBy,omitempty"`
	ApprovedAt       *time.Time `json:"approvedAt,omitempty"`
	ApprovalStatus   string     `json:"approvalStatus,omitempty"`
}

type Message struct {
	ID        string    `json:"id"`
	Author    string    `json:"author"`
	Team      Team      `json:"team"`
	Text      string    `json:"text"`
	CreatedAt time.Time `json:"createdAt"`
}

type QueryGroup struct {
	AppNo            string            `json:"appNo"`
	GroupID          int64             `json:"groupId"`
	Branch           string            `json:"branch"`
	BranchCode       string            `json:"branchCode"`
	CustomerName     string            `json:"customerName"`
	MarkedForTeam    Team              `json:"markedForTeam"`
	SendTo           []Team            `json:"sendTo"`
	SendToSales      bool              `json:"sendToSales"`
	SendToCredit     bool              `json:"sendToCredit"`
	Status           Status            `json:"status"`
	CreatedAt        time.Time         `json:"createdAt"`
	SubmittedBy      string            `json:"submittedBy"`
	Items            []IndividualQuery `json:"items"`
	Messages         []Message         `json:"messages,omitempty"`
	ResolvedAt       *time.Time        `json:"resolvedAt,omitempty"`
	ResolvedBy       string            `json:"resolvedBy,omitempty"`
	ResolutionReason string            `json:"resolutionReason,omitempty"`
	ApprovedBy       string            `json:"approvedBy,omitempty"`
	ApprovedAt       *time.Time        `json:"approvedAt,omitempty"`
	ApprovalStatus   string            `json:"approvalStatus,omitempty"`
}

// Clone returns a deep copy so cached groups are never shared with callers.
func (g QueryGroup) Clone() QueryGroup {
	out := g
	out.SendTo = append([]Team(nil), g.SendTo...)
	out.Items = make([]IndividualQuery, len(g.Items))
	for i, item := range g.Items {
		out.Items[i] = item
		out.Items[i].ResolvedAt = cloneTime(item.ResolvedAt)
		out.Items[i].ApprovedAt = cloneTime(item.ApprovedAt)
	}
	if g.Messages != nil {
		out.Messages = append([]Message(nil), g.Messages...)
	}
	out.ResolvedAt = cloneTime(g.ResolvedAt)
	out.ApprovedAt = cloneTime(g.ApprovedAt)
	return out
}

// Renumber moves the group and every item to a new query number.
func (g *QueryGroup) Renumber(number int64) {
	g.GroupID = number
	for i := range g.Items {
		g.Items[i].QueryNumber = number
	}
}

// ItemIndex returns the position of the item with the given id, or -1.
func (g QueryGroup) ItemIndex(itemID string) int {
	for i, item := range g.Items {
		if item.ID == itemID {
			return i
		}
	}
	return -1
}

// RoutedTo reports whether the group is addressed to team through
// markedForTeam, the sendTo set, or the legacy boolean flags.
func (g QueryGroup) RoutedTo(team Team) bool {
	if team == "" {
		return false
	}
	if g.MarkedForTeam == team {
		return true
	}
	for _, target := range g.SendTo {
		if target == team {
			return true
		}
	}
	switch team {
	case TeamSales:
		return g.SendToSales
	case TeamCredit:
		return g.SendToCredit
	}
	return false
}

// Audience lists every team that should hear about changes to the group.
// Operations always raises the query so it is always included.
func (g QueryGroup) Audience() []Team {
	seen := map[Team]struct{}{TeamOperations: {}}
	out := []Team{TeamOperations}
	add := func(team Team) {
		if team == "" || team == TeamAdmin {
			return
		}
		if _, ok := seen[team]; ok {
			return
		}
		seen[team] = struct{}{}
		out = append(out, team)
	}
	add(g.MarkedForTeam)
	for _, team := range g.SendTo {
		add(team)
	}
	if g.SendToSales {
		add(TeamSales)
	}
	if g.SendToCredit {
		add(TeamCredit)
	}
	return out
}

func cloneTime(value *time.Time) *time.Time {
	if value == nil {
		return nil
	}
	copied := *value
	return &copied
}

package rbac

import "querydesk/api/internal/query"

type Action string

const (
	ActionRead    Action = "read"
	ActionRaise   Action = "raise"
	ActionRespond Action = "respond"
	ActionApprove Action = "approve"
)

// Can reports whether team may perform action. Raising a query is reserved
// for operations; signing off a terminal approval needs operations or admin.
func Can(team query.Team, action Action) bool {
	switch team {
	case query.TeamAdmin:
		return action != ActionRaise
	case query.TeamOperations:
		return true
	case query.TeamSales, query.TeamCredit:
		return action == ActionRead || action == ActionRespond
	default:
		return false
	}
}

// ForStatus returns the action needed to move an item into status.
func ForStatus(status query.Status) Action {
	if status.RequiresApproval() {
		return ActionApprove
	}
	return ActionRespond
}

package query

import "fmt"

type RollupOutcome int

const (
	RollupUnchanged RollupOutcome = iota
	RollupApplied
	RollupReopened
)

func (o RollupOutcome) String() string {
	switch o {
	case RollupApplied:
		return "applied"
	case RollupReopened:
		return "reopened"
	default:
		return "unchanged"
	}
}

// ItemsTerminal reports whether every item is terminal. An empty slice is
// never terminal.
func ItemsTerminal(items []IndividualQuery) bool {
	if len(items) == 0 {
		return false
	}
	for _, item := range items {
		if !item.Status.IsTerminal() {
			return false
		}
	}
	return true
}

// Rollup derives the group status from its items. The group takes the status
// and resolution metadata of items[lastIndex] only when every item is
// terminal. A group that had rolled up and now has an open item is reopened
// as pending. lastIndex < 0 selects the final item.
func Rollup(group *QueryGroup, lastIndex int) (RollupOutcome, error) {
	if len(group.Items) == 0 {
		return RollupUnchanged, fmt.Errorf("%w: group %d", ErrEmptyGroup, group.GroupID)
	}
	if lastIndex < 0 || lastIndex >= len(group.Items) {
		lastIndex = len(group.Items) - 1
	}

	if !ItemsTerminal(group.Items) {
		if group.Status.IsTerminal() {
			group.Status = StatusPending
			group.ResolvedAt = nil
			group.ResolvedBy = ""
			group.ResolutionReason = ""
			group.ApprovedBy = ""
			group.ApprovedAt = nil
			group.ApprovalStatus = ""
			return RollupReopened, nil
		}
		return RollupUnchanged, nil
	}

	last := group.Items[lastIndex]
	group.Status = last.Status
	group.ResolvedAt = cloneTime(last.ResolvedAt)
	group.ResolvedBy = last.ResolvedBy
	group.ResolutionReason = last.ResolutionReason
	group.ApprovedBy = last.ApprovedBy
	group.ApprovedAt = cloneTime(last.ApprovedAt)
	group.ApprovalStatus = last.ApprovalStatus
	return RollupApplied, nil
}

// AllResolved applies the rollup predicate at application granularity: every
// item of every group must be terminal. No groups, or any empty group, is
// not resolved.
func AllResolved(groups []QueryGroup) bool {
	if len(groups) == 0 {
		return false
	}
	for _, group := range groups {
		if !ItemsTerminal(group.Items) {
			return false
		}
	}
	return true
}

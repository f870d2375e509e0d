package rbac

import (
	"testing"

	"querydesk/api/internal/query"
)

func TestCan(t *testing.T) {
	cases := []struct {
		name   string
		team   query.Team
		action Action
		allow  bool
	}{
		{name: "operations raise", team: query.TeamOperations, action: ActionRaise, allow: true},
		{name: "sales raise", team: query.TeamSales, action: ActionRaise, allow: false},
		{name: "credit raise", team: query.TeamCredit, action: ActionRaise, allow: false},
		{name: "admin raise", team: query.TeamAdmin, action: ActionRaise, allow: false},
		{name: "sales respond", team: query.TeamSales, action: ActionRespond, allow: true},
		{name: "credit read", team: query.TeamCredit, action: ActionRead, allow: true},
		{name: "sales approve", team: query.TeamSales, action: ActionApprove, allow: false},
		{name: "operations approve", team: query.TeamOperations, action: ActionApprove, allow: true},
		{name: "admin approve", team: query.TeamAdmin, action: ActionApprove, allow: true},
		{name: "unknown read", team: "marketing", action: ActionRead, allow: false},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if got := Can(tc.team, tc.action); got != tc.allow {
				t.Fatalf("Can(%q, %q) = %v, want %v", tc.team, tc.action, got, tc.allow)
			}
		})
	}
}

func TestForStatus(t *testing.T) {
	if ForStatus(query.StatusApproved) != ActionApprove {
		t.Fatal("approved needs sign-off")
	}
	if ForStatus(query.StatusResolved) != ActionRespond {
		t.Fatal("plain resolution is a response")
	}
	if ForStatus(query.StatusRequestOTC) != ActionRespond {
		t.Fatal("requesting otc is a response")
	}
}

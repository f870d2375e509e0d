package query

import (
	"errors"
	"testing"
	"time"
)

func TestParseStatus(t *testing.T) {
	cases := []struct {
		in   string
		want Status
	}{
		{in: "pending", want: StatusPending},
		{in: "Request_OTC", want: StatusRequestOTC},
		{in: "request deferral", want: StatusRequestDeferral},
		{in: "Waiting-For-Approval", want: StatusWaitingForApproval},
		{in: " APPROVED ", want: StatusApproved},
		{in: "otc", want: StatusOTC},
	}
	for _, tc := range cases {
		t.Run(tc.in, func(t *testing.T) {
			got, err := ParseStatus(tc.in)
			if err != nil {
				t.Fatalf("ParseStatus(%q) error: %v", tc.in, err)
			}
			if got != tc.want {
				t.Fatalf("ParseStatus(%q) = %q, want %q", tc.in, got, tc.want)
			}
		})
	}

	if _, err := ParseStatus("closed"); !errors.Is(err, ErrUnknownStatus) {
		t.Fatalf("expected ErrUnknownStatus, got %v", err)
	}
}

func TestTerminalSet(t *testing.T) {
	terminal := map[Status]bool{
		StatusPending:            false,
		StatusRequestApproved:    false,
		StatusRequestDeferral:    false,
		StatusRequestOTC:         false,
		StatusWaitingForApproval: false,
		StatusApproved:           true,
		StatusDeferred:           true,
		StatusOTC:                true,
		StatusWaived:             true,
		StatusResolved:           true,
	}
	for status, want := range terminal {
		if got := status.IsTerminal(); got != want {
			t.Fatalf("%q.IsTerminal() = %v, want %v", status, got, want)
		}
	}
}

func TestCanTransition(t *testing.T) {
	cases := []struct {
		from, to Status
		allow    bool
	}{
		{from: StatusPending, to: StatusRequestDeferral, allow: true},
		{from: StatusPending, to: StatusResolved, allow: true},
		{from: "", to: StatusApproved, allow: true},
		{from: StatusRequestOTC, to: StatusOTC, allow: true},
		{from: StatusWaitingForApproval, to: StatusPending, allow: true},
		{from: StatusApproved, to: StatusDeferred, allow: false},
		{from: StatusApproved, to: StatusRequestApproved, allow: false},
		{from: StatusWaived, to: StatusPending, allow: true},
		{from: StatusResolved, to: StatusResolved, allow: true},
	}
	for _, tc := range cases {
		if got := CanTransition(tc.from, tc.to); got != tc.allow {
			t.Fatalf("CanTransition(%q, %q) = %v, want %v", tc.from, tc.to, got, tc.allow)
		}
	}
}

func TestApplyTransitionStampsApproval(t *testing.T) {
	at := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	item := IndividualQuery{ID: "abc-0", Status: StatusPending}

	if err := ApplyTransition(&item, Transition{To: StatusApproved, Actor: "ops.lead", At: at}); err != nil {
		t.Fatalf("ApplyTransition error: %v", err)
	}
	if item.ResolvedBy != "ops.lead" || item.ApprovedBy != "ops.lead" {
		t.Fatalf("expected actor fallback, got resolvedBy=%q approvedBy=%q", item.ResolvedBy, item.ApprovedBy)
	}
	if item.ResolvedAt == nil || !item.ResolvedAt.Equal(at) || item.ApprovedAt == nil {
		t.Fatalf("expected timestamps to be stamped, got %+v", item)
	}
	if item.ApprovalStatus != string(StatusApproved) {
		t.Fatalf("expected approval status approved, got %q", item.ApprovalStatus)
	}
}

func TestApplyTransitionApproverPrecedence(t *testing.T) {
	item := IndividualQuery{Status: StatusRequestDeferral}
	err := ApplyTransition(&item, Transition{To: StatusDeferred, Actor: "sys", ApprovedBy: "manager", ResolvedBy: "agent"})
	if err != nil {
		t.Fatalf("ApplyTransition error: %v", err)
	}
	if item.ApprovedBy != "manager" || item.ResolvedBy != "agent" {
		t.Fatalf("expected distinct approver and resolver, got %+v", item)
	}

	other := IndividualQuery{Status: StatusPending}
	if err := ApplyTransition(&other, Transition{To: StatusWaived, Actor: "sys", ApprovedBy: "manager"}); err != nil {
		t.Fatalf("ApplyTransition error: %v", err)
	}
	if other.ResolvedBy != "manager" {
		t.Fatalf("expected resolvedBy to default to approver, got %q", other.ResolvedBy)
	}
}

func TestApplyTransitionResolvedSkipsApproval(t *testing.T) {
	item := IndividualQuery{Status: StatusPending}
	if err := ApplyTransition(&item, Transition{To: StatusResolved, Actor: "sales.rep", ResolutionReason: "docs uploaded"}); err != nil {
		t.Fatalf("ApplyTransition error: %v", err)
	}
	if item.ResolvedBy != "sales.rep" || item.ResolvedAt == nil {
		t.Fatalf("expected resolution metadata, got %+v", item)
	}
	if item.ApprovedBy != "" || item.ApprovedAt != nil || item.ApprovalStatus != "" {
		t.Fatalf("plain resolve should not record approval, got %+v", item)
	}
}

func TestApplyTransitionRevertClearsMetadata(t *testing.T) {
	item := IndividualQuery{Status: StatusPending}
	if err := ApplyTransition(&item, Transition{To: StatusOTC, Actor: "ops"}); err != nil {
		t.Fatalf("ApplyTransition error: %v", err)
	}
	if err := ApplyTransition(&item, Transition{To: StatusPending, Actor: "ops"}); err != nil {
		t.Fatalf("revert error: %v", err)
	}
	if item.Status != StatusPending || item.ResolvedAt != nil || item.ApprovedBy != "" {
		t.Fatalf("expected cleared item after revert, got %+v", item)
	}
}

func TestApplyTransitionRejectsInvalid(t *testing.T) {
	item := IndividualQuery{Status: StatusApproved}
	err := ApplyTransition(&item, Transition{To: StatusDeferred, Actor: "ops"})
	if !errors.Is(err, ErrInvalidTransition) {
		t.Fatalf("expected ErrInvalidTransition, got %v", err)
	}
	if item.Status != StatusApproved {
		t.Fatalf("status should be unchanged, got %q", item.Status)
	}
}

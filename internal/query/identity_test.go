package query

import (
	"context"
	"errors"
	"reflect"
	"testing"
)

type mapIndex struct {
	name   string
	groups []QueryGroup
	err    error
}

func (m *mapIndex) Name() string { return m.name }

func (m *mapIndex) FindByItemID(_ context.Context, itemID string) (QueryGroup, bool, error) {
	if m.err != nil {
		return QueryGroup{}, false, m.err
	}
	for _, group := range m.groups {
		if group.ItemIndex(itemID) >= 0 {
			return group, true, nil
		}
	}
	return QueryGroup{}, false, nil
}

func (m *mapIndex) FindByGroupID(_ context.Context, groupID int64) (QueryGroup, bool, error) {
	if m.err != nil {
		return QueryGroup{}, false, m.err
	}
	for _, group := range m.groups {
		if group.GroupID == groupID {
			return group, true, nil
		}
	}
	return QueryGroup{}, false, nil
}

func TestCandidates(t *testing.T) {
	cases := []struct {
		name     string
		raw      any
		original any
		want     []string
	}{
		{name: "int", raw: 42, want: []string{"42"}},
		{name: "json number", raw: float64(42), want: []string{"42"}},
		{name: "padded string", raw: " 042 ", original: nil, want: []string{" 042 ", "042", "42"}},
		{name: "with hint", raw: "42", original: "abc-0", want: []string{"42", "abc-0"}},
		{name: "nil raw", raw: nil, original: "abc-0", want: []string{"abc-0"}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got := Candidates(tc.raw, tc.original)
			if !reflect.DeepEqual(got, tc.want) {
				t.Fatalf("Candidates(%#v, %#v) = %#v, want %#v", tc.raw, tc.original, got, tc.want)
			}
		})
	}
}

func TestReconcileResolvesEveryIdentifierScheme(t *testing.T) {
	group := QueryGroup{GroupID: 42, AppNo: "GGN100", Items: []IndividualQuery{{ID: "abc-0", Status: StatusPending}}}
	durable := &mapIndex{name: "durable", groups: []QueryGroup{group}}

	lookups := []struct {
		raw      any
		original any
	}{
		{raw: 42},
		{raw: "42"},
		{raw: "abc-0"},
		{raw: "stale-id", original: "abc-0"},
	}
	for _, lookup := range lookups {
		match, err := Reconcile(context.Background(), Candidates(lookup.raw, lookup.original), durable)
		if err != nil {
			t.Fatalf("Reconcile(%v, %v) error: %v", lookup.raw, lookup.original, err)
		}
		if match.Group.GroupID != 42 {
			t.Fatalf("Reconcile(%v) matched group %d", lookup.raw, match.Group.GroupID)
		}
		itemID, err := match.ItemTarget()
		if err != nil || itemID != "abc-0" {
			t.Fatalf("ItemTarget = %q, %v; want abc-0", itemID, err)
		}
	}
}

func TestReconcilePrefersItemIndexAndFallsBackToCache(t *testing.T) {
	durable := &mapIndex{name: "durable", err: errors.New("connection refused")}
	cache := &mapIndex{name: "cache", groups: []QueryGroup{{GroupID: 5, Items: []IndividualQuery{{ID: "x-0"}, {ID: "x-1"}}}}}

	match, err := Reconcile(context.Background(), []string{"x-1"}, durable, cache)
	if err != nil {
		t.Fatalf("Reconcile error: %v", err)
	}
	if match.Source != "cache" || match.Level != LevelItem || match.ItemID != "x-1" {
		t.Fatalf("unexpected match %+v", match)
	}

	groupMatch, err := Reconcile(context.Background(), []string{"5"}, durable, cache)
	if err != nil {
		t.Fatalf("Reconcile error: %v", err)
	}
	if groupMatch.Level != LevelGroup {
		t.Fatalf("expected group-level match, got %s", groupMatch.Level)
	}
	if _, err := groupMatch.ItemTarget(); !errors.Is(err, ErrAmbiguousItem) {
		t.Fatalf("expected ErrAmbiguousItem for multi-item group, got %v", err)
	}
}

func TestReconcileNotFoundCarriesCandidates(t *testing.T) {
	candidates := Candidates("77", "zzz-1")
	_, err := Reconcile(context.Background(), candidates, &mapIndex{name: "durable"}, &mapIndex{name: "cache"})
	if !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
	var nf *NotFoundError
	if !errors.As(err, &nf) {
		t.Fatalf("expected *NotFoundError, got %T", err)
	}
	if !reflect.DeepEqual(nf.Candidates, candidates) {
		t.Fatalf("candidates = %v, want %v", nf.Candidates, candidates)
	}
}

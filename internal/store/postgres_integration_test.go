package store

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"querydesk/api/internal/query"
)

func openIntegrationStore(t *testing.T) *PostgresStore {
	t.Helper()
	if testing.Short() {
		t.Skip("skipping integration test in short mode")
	}
	dsn := strings.TrimSpace(os.Getenv("QUERYDESK_TEST_DATABASE_URL"))
	if dsn == "" {
		t.Skip("QUERYDESK_TEST_DATABASE_URL is not set")
	}

	ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
	defer cancel()

	db, err := Open(ctx, dsn)
	if err != nil {
		t.Fatalf("open database: %v", err)
	}
	t.Cleanup(func() { _ = db.Close() })

	if err := resetPublicSchema(ctx, db); err != nil {
		t.Fatalf("reset schema: %v", err)
	}
	if _, err := ApplyMigrations(ctx, db, filepath.Join("..", "..", "db", "migrations")); err != nil {
		t.Fatalf("apply migrations: %v", err)
	}
	return NewPostgresStore(db)
}

func TestPostgresStoreGroupRoundTrip(t *testing.T) {
	s := openIntegrationStore(t)
	ctx := context.Background()

	createdAt := time.Date(2026, 2, 10, 9, 30, 0, 0, time.UTC)
	group := query.QueryGroup{
		AppNo:         "GGN100",
		GroupID:       41,
		Branch:        "Gurgaon",
		BranchCode:    "GGN",
		CustomerName:  "Asha Rao",
		MarkedForTeam: query.TeamSales,
		SendTo:        []query.Team{query.TeamSales},
		SendToSales:   true,
		Status:        query.StatusPending,
		CreatedAt:     createdAt,
		SubmittedBy:   "ops.user",
		Items: []query.IndividualQuery{
			{ID: "a1b2c3d4-0", Text: "Salary slip missing", Status: query.StatusPending, SentTo: query.TeamSales, QueryNumber: 41},
			{ID: "a1b2c3d4-1", Text: "Address proof", Status: query.StatusPending, SentTo: query.TeamSales, QueryNumber: 41},
		},
	}
	if err := s.SaveGroup(ctx, group); err != nil {
		t.Fatalf("save group: %v", err)
	}

	loaded, err := s.FindGroupByItemID(ctx, "a1b2c3d4-1")
	if err != nil {
		t.Fatalf("find by item: %v", err)
	}
	if loaded.GroupID != 41 || len(loaded.Items) != 2 || loaded.Items[1].Text != "Address proof" {
		t.Fatalf("unexpected group %+v", loaded)
	}
	if len(loaded.SendTo) != 1 || loaded.SendTo[0] != query.TeamSales {
		t.Fatalf("send_to not preserved: %v", loaded.SendTo)
	}

	resolvedAt := createdAt.Add(time.Hour)
	loaded.Items[0].Status = query.StatusApproved
	loaded.Items[0].ResolvedAt = &resolvedAt
	loaded.Items[0].ResolvedBy = "ops.lead"
	loaded.Messages = []query.Message{{ID: "m1", Author: "ops.lead", Team: query.TeamOperations, Text: "approved", CreatedAt: resolvedAt}}
	if err := s.SaveGroup(ctx, loaded); err != nil {
		t.Fatalf("save group again: %v", err)
	}

	again, err := s.GetGroup(ctx, 41)
	if err != nil {
		t.Fatalf("get group: %v", err)
	}
	if again.Items[0].Status != query.StatusApproved || again.Items[0].ResolvedAt == nil || len(again.Messages) != 1 {
		t.Fatalf("update not persisted: %+v", again)
	}

	maxValue, err := s.MaxQueryNumber(ctx)
	if err != nil || maxValue != 41 {
		t.Fatalf("MaxQueryNumber = %d, %v; want 41", maxValue, err)
	}

	resolved := false
	open, err := s.ListGroups(ctx, query.Filter{AppNo: "ggn", Resolved: &resolved})
	if err != nil || len(open) != 1 {
		t.Fatalf("ListGroups = %d groups, %v; want 1", len(open), err)
	}

	if _, err := s.GetGroup(ctx, 999); !IsNotFound(err) {
		t.Fatalf("expected not found, got %v", err)
	}
}

func TestPostgresStoreSanctionedCaseRemoveIfExists(t *testing.T) {
	s := openIntegrationStore(t)
	ctx := context.Background()

	if err := s.InsertSanctionedCase(ctx, SanctionedCase{AppNo: "GGN100", CustomerName: "Asha Rao"}); err != nil {
		t.Fatalf("insert sanctioned case: %v", err)
	}
	removed, err := s.DeleteSanctionedCase(ctx, "GGN100")
	if err != nil || !removed {
		t.Fatalf("first delete = %v, %v; want true", removed, err)
	}
	removed, err = s.DeleteSanctionedCase(ctx, "GGN100")
	if err != nil || removed {
		t.Fatalf("second delete = %v, %v; want false, nil", removed, err)
	}
}

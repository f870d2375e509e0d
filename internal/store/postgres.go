package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"querydesk/api/internal/query"
)

type PostgresStore struct {
	db *sql.DB
}

func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

func (s *PostgresStore) DB() *sql.DB {
	return s.db
}

func (s *PostgresStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// MaxQueryNumber returns the highest group id or query number persisted so
// far. Both come from the same counter.
func (s *PostgresStore) MaxQueryNumber(ctx context.Context) (int64, error) {
	var maxValue int64
	err := s.db.QueryRowContext(ctx, `
		SELECT GREATEST(
			COALESCE((SELECT MAX(group_id) FROM query_groups), 0),
			COALESCE((SELECT MAX(query_number) FROM query_items), 0)
		)
	`).Scan(&maxValue)
	if err != nil {
		return 0, fmt.Errorf("max query number: %w", err)
	}
	return maxValue, nil
}

// SaveGroup upserts the group row, every item and any new messages in one
// transaction. Items and messages are never deleted here.
func (s *PostgresStore) SaveGroup(ctx context.Context, group query.QueryGroup) error {
	sendTo, err := json.Marshal(teamsOrEmpty(group.SendTo))
	if err != nil {
		return fmt.Errorf("encode send_to: %w", err)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin save group: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	_, err = tx.ExecContext(ctx, `
		INSERT INTO query_groups (
			group_id, app_no, branch, branch_code, customer_name, marked_for_team, send_to,
			send_to_sales, send_to_credit, status, submitted_by, created_at,
			resolved_at, resolved_by, resolution_reason, approved_by, approved_at, approval_status
		)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, $18)
		ON CONFLICT (group_id) DO UPDATE SET
			app_no=EXCLUDED.app_no,
			branch=EXCLUDED.branch,
			branch_code=EXCLUDED.branch_code,
			customer_name=EXCLUDED.customer_name,
			marked_for_team=EXCLUDED.marked_for_team,
			send_to=EXCLUDED.send_to,
			send_to_sales=EXCLUDED.send_to_sales,
			send_to_credit=EXCLUDED.send_to_credit,
			status=EXCLUDED.status,
			resolved_at=EXCLUDED.resolved_at,
			resolved_by=EXCLUDED.resolved_by,
			resolution_reason=EXCLUDED.resolution_reason,
			approved_by=EXCLUDED.approved_by,
			approved_at=EXCLUDED.approved_at,
			approval_status=EXCLUDED.approval_status,
			updated_at=NOW()
	`,
		group.GroupID, group.AppNo, group.Branch, group.BranchCode, group.CustomerName,
		string(group.MarkedForTeam), string(sendTo), group.SendToSales, group.SendToCredit,
		string(group.Status), group.SubmittedBy, createdAt(group.CreatedAt),
		nullTime(group.ResolvedAt), group.ResolvedBy, group.ResolutionReason,
		group.ApprovedBy, nullTime(group.ApprovedAt), group.ApprovalStatus,
	)
	if err != nil {
		return fmt.Errorf("upsert group %d: %w", group.GroupID, err)
	}

	for position, item := range group.Items {
		_, err := tx.ExecContext(ctx, `
			INSERT INTO query_items (
				group_id, id, position, text, status, sent_to, query_number, proposed_action,
				resolved_by, resolved_at, resolution_reason, approver_comment,
				approved_by, approved_at, approval_status
			)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15)
			ON CONFLICT (group_id, id) DO UPDATE SET
				position=EXCLUDED.position,
				text=EXCLUDED.text,
				status=EXCLUDED.status,
				sent_to=EXCLUDED.sent_to,
				proposed_action=EXCLUDED.proposed_action,
				resolved_by=EXCLUDED.resolved_by,
				resolved_at=EXCLUDED.resolved_at,
				resolution_reason=EXCLUDED.resolution_reason,
				approver_comment=EXCLUDED.approver_comment,
				approved_by=EXCLUDED.approved_by,
				approved_at=EXCLUDED.approved_at,
				approval_status=EXCLUDED.approval_status
		`,
			group.GroupID, item.ID, position, item.Text, string(item.Status), string(item.SentTo),
			item.QueryNumber, item.ProposedAction, item.ResolvedBy, nullTime(item.ResolvedAt),
			item.ResolutionReason, item.ApproverComment, item.ApprovedBy, nullTime(item.ApprovedAt),
			item.ApprovalStatus,
		)
		if err != nil {
			return fmt.Errorf("upsert item %s: %w", item.ID, err)
		}
	}

	for _, message := range group.Messages {
		_, err := tx.ExecContext(ctx, `
			INSERT INTO query_messages (id, group_id, author, team, text, created_at)
			VALUES ($1, $2, $3, $4, $5, $6)
			ON CONFLICT (id) DO NOTHING
		`, message.ID, group.GroupID, message.Author, string(message.Team), message.Text, createdAt(message.CreatedAt))
		if err != nil {
			return fmt.Errorf("insert message %s: %w", message.ID, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit save group %d: %w", group.GroupID, err)
	}
	return nil
}

// GetGroup returns sql.ErrNoRows when the group does not exist.
func (s *PostgresStore) GetGroup(ctx context.Context, groupID int64) (query.QueryGroup, error) {
	groups, err := s.loadGroups(ctx, "g.group_id = $1", groupID)
	if err != nil {
		return query.QueryGroup{}, err
	}
	if len(groups) == 0 {
		return query.QueryGroup{}, sql.ErrNoRows
	}
	return groups[0], nil
}

// FindGroupByItemID returns the group owning the item, or sql.ErrNoRows.
func (s *PostgresStore) FindGroupByItemID(ctx context.Context, itemID string) (query.QueryGroup, error) {
	var groupID int64
	err := s.db.QueryRowContext(ctx, `SELECT group_id FROM query_items WHERE id=$1 ORDER BY group_id LIMIT 1`, itemID).Scan(&groupID)
	if err != nil {
		return query.QueryGroup{}, err
	}
	return s.GetGroup(ctx, groupID)
}

// ListGroups pushes the appNo and resolved predicates into SQL and applies
// the rest of the filter in memory.
func (s *PostgresStore) ListGroups(ctx context.Context, filter query.Filter) ([]query.QueryGroup, error) {
	var (
		clauses []string
		args    []any
	)
	if appNo := strings.TrimSpace(filter.AppNo); appNo != "" {
		args = append(args, "%"+appNo+"%")
		clauses = append(clauses, fmt.Sprintf("g.app_no ILIKE $%d", len(args)))
	}
	if filter.Resolved != nil {
		terminal := "g.status IN ('approved', 'deferred', 'otc', 'waived', 'resolved')"
		if *filter.Resolved {
			clauses = append(clauses, terminal)
		} else {
			clauses = append(clauses, "NOT ("+terminal+")")
		}
	}
	where := "TRUE"
	if len(clauses) > 0 {
		where = strings.Join(clauses, " AND ")
	}

	groups, err := s.loadGroups(ctx, where, args...)
	if err != nil {
		return nil, err
	}
	out := groups[:0]
	for _, group := range groups {
		if filter.Match(group) {
			out = append(out, group)
		}
	}
	return out, nil
}

func (s *PostgresStore) ListGroupsByAppNo(ctx context.Context, appNo string) ([]query.QueryGroup, error) {
	return s.loadGroups(ctx, "g.app_no = $1", appNo)
}

// DeleteSanctionedCase reports whether a row was removed. A missing row is
// not an error.
func (s *PostgresStore) DeleteSanctionedCase(ctx context.Context, appNo string) (bool, error) {
	result, err := s.db.ExecContext(ctx, `DELETE FROM sanctioned_cases WHERE app_no=$1`, appNo)
	if err != nil {
		return false, fmt.Errorf("delete sanctioned case: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("delete sanctioned case rows: %w", err)
	}
	return affected > 0, nil
}

func (s *PostgresStore) InsertSanctionedCase(ctx context.Context, item SanctionedCase) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO sanctioned_cases (app_no, customer_name, branch)
		VALUES ($1, $2, $3)
		ON CONFLICT (app_no) DO NOTHING
	`, item.AppNo, item.CustomerName, item.Branch)
	if err != nil {
		return fmt.Errorf("insert sanctioned case: %w", err)
	}
	return nil
}

// LookupApplication returns sql.ErrNoRows for unknown application numbers.
func (s *PostgresStore) LookupApplication(ctx context.Context, appNo string) (Application, error) {
	var item Application
	err := s.db.QueryRowContext(ctx, `
		SELECT app_no, customer_name, branch, branch_code, updated_at
		FROM applications
		WHERE app_no=$1
	`, appNo).Scan(&item.AppNo, &item.CustomerName, &item.Branch, &item.BranchCode, &item.UpdatedAt)
	if err != nil {
		return Application{}, err
	}
	return item, nil
}

func (s *PostgresStore) UpsertApplication(ctx context.Context, item Application) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO applications (app_no, customer_name, branch, branch_code)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (app_no) DO UPDATE SET
			customer_name=EXCLUDED.customer_name,
			branch=EXCLUDED.branch,
			branch_code=EXCLUDED.branch_code,
			updated_at=NOW()
	`, item.AppNo, item.CustomerName, item.Branch, item.BranchCode)
	if err != nil {
		return fmt.Errorf("upsert application: %w", err)
	}
	return nil
}

// loadGroups runs the group, item and message queries with the same WHERE
// clause over alias g and stitches the results together in group order.
func (s *PostgresStore) loadGroups(ctx context.Context, where string, args ...any) ([]query.QueryGroup, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT g.group_id, g.app_no, g.branch, g.branch_code, g.customer_name, g.marked_for_team,
			g.send_to, g.send_to_sales, g.send_to_credit, g.status, g.submitted_by, g.created_at,
			g.resolved_at, g.resolved_by, g.resolution_reason, g.approved_by, g.approved_at, g.approval_status
		FROM query_groups g
		WHERE `+where+`
		ORDER BY g.created_at DESC, g.group_id DESC
	`, args...)
	if err != nil {
		return nil, fmt.Errorf("list groups: %w", err)
	}
	defer rows.Close()

	groups := make([]query.QueryGroup, 0)
	index := map[int64]int{}
	for rows.Next() {
		var (
			group      query.QueryGroup
			marked     string
			status     string
			sendToRaw  []byte
			resolvedAt sql.NullTime
			approvedAt sql.NullTime
		)
		if err := rows.Scan(
			&group.GroupID, &group.AppNo, &group.Branch, &group.BranchCode, &group.CustomerName, &marked,
			&sendToRaw, &group.SendToSales, &group.SendToCredit, &status, &group.SubmittedBy, &group.CreatedAt,
			&resolvedAt, &group.ResolvedBy, &group.ResolutionReason, &group.ApprovedBy, &approvedAt, &group.ApprovalStatus,
		); err != nil {
			return nil, fmt.Errorf("scan group: %w", err)
		}
		group.MarkedForTeam = query.Team(marked)
		group.Status = query.Status(status)
		group.ResolvedAt = timePtr(resolvedAt)
		group.ApprovedAt = timePtr(approvedAt)
		if len(sendToRaw) > 0 {
			if err := json.Unmarshal(sendToRaw, &group.SendTo); err != nil {
				return nil, fmt.Errorf("decode send_to for group %d: %w", group.GroupID, err)
			}
		}
		group.Items = []query.IndividualQuery{}
		index[group.GroupID] = len(groups)
		groups = append(groups, group)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate groups: %w", err)
	}
	if len(groups) == 0 {
		return groups, nil
	}

	if err := s.attachItems(ctx, groups, index, where, args...); err != nil {
		return nil, err
	}
	if err := s.attachMessages(ctx, groups, index, where, args...); err != nil {
		return nil, err
	}
	return groups, nil
}

func (s *PostgresStore) attachItems(ctx context.Context, groups []query.QueryGroup, index map[int64]int, where string, args ...any) error {
	rows, err := s.db.QueryContext(ctx, `
		SELECT i.group_id, i.id, i.text, i.status, i.sent_to, i.query_number, i.proposed_action,
			i.resolved_by, i.resolved_at, i.resolution_reason, i.approver_comment,
			i.approved_by, i.approved_at, i.approval_status
		FROM query_items i
		JOIN query_groups g ON g.group_id = i.group_id
		WHERE `+where+`
		ORDER BY i.group_id, i.position
	`, args...)
	if err != nil {
		return fmt.Errorf("list items: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var (
			groupID    int64
			item       query.IndividualQuery
			status     string
			sentTo     string
			resolvedAt sql.NullTime
			approvedAt sql.NullTime
		)
		if err := rows.Scan(
			&groupID, &item.ID, &item.Text, &status, &sentTo, &item.QueryNumber, &item.ProposedAction,
			&item.ResolvedBy, &resolvedAt, &item.ResolutionReason, &item.ApproverComment,
			&item.ApprovedBy, &approvedAt, &item.ApprovalStatus,
		); err != nil {
			return fmt.Errorf("scan item: %w", err)
		}
		item.Status = query.Status(status)
		item.SentTo = query.Team(sentTo)
		item.ResolvedAt = timePtr(resolvedAt)
		item.ApprovedAt = timePtr(approvedAt)
		if pos, ok := index[groupID]; ok {
			groups[pos].Items = append(groups[pos].Items, item)
		}
	}
	if err := rows.Err(); err != nil {
		return fmt.Errorf("iterate items: %w", err)
	}
	return nil
}

func (s *PostgresStore) attachMessages(ctx context.Context, groups []query.QueryGroup, index map[int64]int, where string, args ...any) error {
	rows, err := s.db.QueryContext(ctx, `
		SELECT m.group_id, m.id, m.author, m.team, m.text, m.created_at
		FROM query_messages m
		JOIN query_groups g ON g.group_id = m.group_id
		WHERE `+where+`
		ORDER BY m.group_id, m.created_at, m.id
	`, args...)
	if err != nil {
		return fmt.Errorf("list messages: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var (
			groupID int64
			message query.Message
			team    string
		)
		if err := rows.Scan(&groupID, &message.ID, &message.Author, &team, &message.Text, &message.CreatedAt); err != nil {
			return fmt.Errorf("scan message: %w", err)
		}
		message.Team = query.Team(team)
		if pos, ok := index[groupID]; ok {
			groups[pos].Messages = append(groups[pos].Messages, message)
		}
	}
	if err := rows.Err(); err != nil {
		return fmt.Errorf("iterate messages: %w", err)
	}
	return nil
}

// IsNotFound reports whether err is the store's not-found signal.
func IsNotFound(err error) bool {
	return errors.Is(err, sql.ErrNoRows)
}

func teamsOrEmpty(teams []query.Team) []query.Team {
	if teams == nil {
		return []query.Team{}
	}
	return teams
}

func nullTime(value *time.Time) sql.NullTime {
	if value == nil {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: value.UTC(), Valid: true}
}

func timePtr(value sql.NullTime) *time.Time {
	if !value.Valid {
		return nil
	}
	t := value.Time.UTC()
	return &t
}

func createdAt(value time.Time) time.Time {
	if value.IsZero() {
		return time.Now().UTC()
	}
	return value.UTC()
}

package app

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"

	"github.com/sirupsen/logrus"

	"querydesk/api/internal/bus"
	"querydesk/api/internal/query"
	"querydesk/api/internal/rbac"
	"querydesk/api/internal/search"
	"querydesk/api/internal/util"
)

// TeamList accepts either a single team name ("Sales", "both", "sales,credit")
// or a JSON array of names.
type TeamList []query.Team

func (t *TeamList) UnmarshalJSON(data []byte) error {
	var single string
	if err := json.Unmarshal(data, &single); err == nil {
		*t = parseTeams(strings.Split(single, ","))
		return nil
	}
	var many []string
	if err := json.Unmarshal(data, &many); err != nil {
		return fmt.Errorf("sendTo must be a string or an array of strings")
	}
	*t = parseTeams(many)
	return nil
}

func parseTeams(values []string) TeamList {
	out := TeamList{}
	seen := map[query.Team]struct{}{}
	add := func(team query.Team) {
		if _, ok := seen[team]; ok {
			return
		}
		seen[team] = struct{}{}
		out = append(out, team)
	}
	for _, value := range values {
		normalized := query.NormalizeTeam(value)
		switch normalized {
		case "":
			continue
		case "both":
			add(query.TeamSales)
			add(query.TeamCredit)
		default:
			add(normalized)
		}
	}
	return out
}

type CreateQueryInput struct {
	AppNo        string   `json:"appNo" validate:"required,max=64"`
	Queries      []string `json:"queries" validate:"required,min=1,dive,required"`
	SendTo       TeamList `json:"sendTo" validate:"required,min=1,dive,oneof=operations sales credit"`
	CustomerName string   `json:"customerName"`
	Branch       string   `json:"branch"`
	BranchCode   string   `json:"branchCode"`
	Device       string   `json:"device"`
}

type CreateResult struct {
	Group    query.QueryGroup `json:"group"`
	Degraded bool             `json:"degraded"`
}

// CreateQuery raises one group with one item per query text. Every item
// shares the group's query number.
func (s *Service) CreateQuery(ctx context.Context, session Session, input CreateQueryInput) (CreateResult, error) {
	if !s.Can(session.Team, rbac.ActionRaise) {
		return CreateResult{}, forbidden("only operations can raise queries")
	}
	input.AppNo = strings.TrimSpace(input.AppNo)
	texts := make([]string, 0, len(input.Queries))
	for _, text := range input.Queries {
		if trimmed := strings.TrimSpace(text); trimmed != "" {
			texts = append(texts, trimmed)
		}
	}
	input.Queries = texts
	if err := s.validate.Struct(input); err != nil {
		return CreateResult{}, validationError("invalid query", fieldErrors(err))
	}

	group := query.QueryGroup{
		AppNo:         input.AppNo,
		CustomerName:  strings.TrimSpace(input.CustomerName),
		Branch:        strings.TrimSpace(input.Branch),
		BranchCode:    strings.TrimSpace(input.BranchCode),
		MarkedForTeam: input.SendTo[0],
		SendTo:        []query.Team(input.SendTo),
		Status:        query.StatusPending,
		CreatedAt:     s.now().UTC(),
		SubmittedBy:   session.Actor(),
	}
	for _, team := range input.SendTo {
		group.SendToSales = group.SendToSales || team == query.TeamSales
		group.SendToCredit = group.SendToCredit || team == query.TeamCredit
	}
	s.enrich(ctx, &group)

	number := s.queries.NextQueryNumber(ctx)
	group.GroupID = number
	ids := util.BatchIDs(len(texts))
	for i, text := range texts {
		group.Items = append(group.Items, query.IndividualQuery{
			ID:          ids[i],
			Text:        text,
			Status:      query.StatusPending,
			SentTo:      group.MarkedForTeam,
			QueryNumber: number,
		})
	}

	result, err := s.queries.Write(ctx, group)
	if err != nil {
		return CreateResult{}, fmt.Errorf("write group %d: %w", group.GroupID, err)
	}
	if result.GroupID != 0 && result.GroupID != group.GroupID {
		group.Renumber(result.GroupID)
	}
	queriesCreatedTotal.Add(float64(len(group.Items)))
	s.logger.WithFields(logrus.Fields{
		"groupId":  group.GroupID,
		"appNo":    group.AppNo,
		"items":    len(group.Items),
		"degraded": result.Degraded,
	}).Info("query group created")

	for _, item := range group.Items {
		event := bus.GroupEvent(group, item.ID, bus.ActionCreated, query.StatusPending, session.Actor())
		event.Device = input.Device
		s.publish(ctx, event)
	}
	if s.search != nil {
		s.search.IndexGroup(group)
	}
	return CreateResult{Group: group, Degraded: result.Degraded}, nil
}

// enrich fills customer and branch from reference data without overriding
// values the caller supplied.
func (s *Service) enrich(ctx context.Context, group *query.QueryGroup) {
	if s.reference == nil {
		return
	}
	app, err := s.reference.LookupApplication(ctx, group.AppNo)
	if err != nil {
		s.logger.WithFields(logrus.Fields{"appNo": group.AppNo, "error": err.Error()}).Debug("reference lookup skipped")
		return
	}
	if group.CustomerName == "" {
		group.CustomerName = app.CustomerName
	}
	if group.Branch == "" {
		group.Branch = app.Branch
	}
	if group.BranchCode == "" {
		group.BranchCode = app.BranchCode
	}
}

type ListQueriesInput struct {
	Status   string
	Team     string
	Resolved *bool
	Branches string
	AppNo    string
}

func (s *Service) ListQueries(ctx context.Context, session Session, input ListQueriesInput) ([]query.QueryGroup, error) {
	if !s.Can(session.Team, rbac.ActionRead) {
		return nil, forbidden("forbidden")
	}
	filter := query.Filter{
		Resolved: input.Resolved,
		AppNo:    strings.TrimSpace(input.AppNo),
	}
	if raw := strings.TrimSpace(input.Status); raw != "" {
		status, err := query.ParseStatus(raw)
		if err != nil {
			return nil, validationError("unknown status", map[string]string{"status": raw})
		}
		filter.Status = status
	}
	if raw := strings.TrimSpace(input.Team); raw != "" {
		team := query.NormalizeTeam(raw)
		if !team.Valid() {
			return nil, validationError("unknown team", map[string]string{"team": raw})
		}
		filter.Team = team
	}

	groups, err := s.queries.List(ctx, filter)
	if err != nil {
		return nil, err
	}
	return s.visible(session, groups, query.ParseBranches(input.Branches)), nil
}

// GetQuery resolves any accepted identifier form. Groups the caller may not
// see are reported as missing.
func (s *Service) GetQuery(ctx context.Context, session Session, id string) (query.QueryGroup, error) {
	if !s.Can(session.Team, rbac.ActionRead) {
		return query.QueryGroup{}, forbidden("forbidden")
	}
	match, err := s.queries.Resolve(ctx, id, nil)
	if err != nil {
		return query.QueryGroup{}, resolveError(err)
	}
	if !s.canView(session, match.Group) {
		return query.QueryGroup{}, notFound("query not found", nil)
	}
	return match.Group, nil
}

type UpdateQueryInput struct {
	QueryID           any      `json:"queryId" validate:"required"`
	OriginalQueryID   any      `json:"originalQueryId,omitempty"`
	IsIndividualQuery bool     `json:"isIndividualQuery"`
	Status            string   `json:"status,omitempty"`
	ResolvedBy        string   `json:"resolvedBy,omitempty"`
	ApprovedBy        string   `json:"approvedBy,omitempty"`
	ResolutionReason  string   `json:"resolutionReason,omitempty" validate:"max=2000"`
	ApproverComment   string   `json:"approverComment,omitempty" validate:"max=2000"`
	ProposedAction    string   `json:"proposedAction,omitempty"`
	MarkedForTeam     string   `json:"markedForTeam,omitempty"`
	SendTo            TeamList `json:"sendTo,omitempty" validate:"omitempty,dive,oneof=operations sales credit"`
	Message           string   `json:"message,omitempty" validate:"max=4000"`
	Device            string   `json:"device,omitempty"`
}

func (in UpdateQueryInput) empty() bool {
	return strings.TrimSpace(in.Status) == "" &&
		strings.TrimSpace(in.Message) == "" &&
		strings.TrimSpace(in.MarkedForTeam) == "" &&
		in.SendTo == nil &&
		strings.TrimSpace(in.ProposedAction) == "" &&
		strings.TrimSpace(in.ApproverComment) == ""
}

type UpdateResult struct {
	Group    query.QueryGroup `json:"group"`
	ItemID   string           `json:"itemId,omitempty"`
	Rollup   string           `json:"rollup"`
	Degraded bool             `json:"degraded"`
}

// UpdateQuery applies an item-level or group-level change to the record the
// identifier reconciles to. All writes use the matched record's own ids.
func (s *Service) UpdateQuery(ctx context.Context, session Session, input UpdateQueryInput) (UpdateResult, error) {
	if !s.Can(session.Team, rbac.ActionRespond) {
		return UpdateResult{}, forbidden("forbidden")
	}
	if err := s.validate.Struct(input); err != nil {
		return UpdateResult{}, validationError("invalid update", fieldErrors(err))
	}
	if input.empty() {
		return UpdateResult{}, validationError("nothing to update", nil)
	}

	var status query.Status
	if raw := strings.TrimSpace(input.Status); raw != "" {
		parsed, err := query.ParseStatus(raw)
		if err != nil {
			return UpdateResult{}, validationError("unknown status", map[string]string{"status": raw})
		}
		status = parsed
		if !s.Can(session.Team, rbac.ForStatus(status)) {
			return UpdateResult{}, forbidden(fmt.Sprintf("%s cannot move a query to %s", session.Team, status))
		}
	}
	var markedFor query.Team
	if raw := strings.TrimSpace(input.MarkedForTeam); raw != "" {
		markedFor = query.NormalizeTeam(raw)
		if !markedFor.Valid() || markedFor == query.TeamAdmin {
			return UpdateResult{}, validationError("unknown team", map[string]string{"markedForTeam": raw})
		}
	}

	match, err := s.queries.Resolve(ctx, input.QueryID, input.OriginalQueryID)
	if err != nil {
		return UpdateResult{}, resolveError(err)
	}
	if !s.canView(session, match.Group) {
		return UpdateResult{}, notFound("query not found", nil)
	}

	var itemID string
	if input.IsIndividualQuery {
		itemID, err = match.ItemTarget()
		if err != nil {
			return UpdateResult{}, validationError("identifier names a group with several items; pass an item id", map[string]any{"groupId": match.Group.GroupID})
		}
	}

	actor := session.Actor()
	at := s.now().UTC()
	transition := query.Transition{
		To:               status,
		Actor:            actor,
		ResolvedBy:       input.ResolvedBy,
		ApprovedBy:       input.ApprovedBy,
		ResolutionReason: strings.TrimSpace(input.ResolutionReason),
		ApproverComment:  strings.TrimSpace(input.ApproverComment),
		ProposedAction:   strings.TrimSpace(input.ProposedAction),
		At:               at,
	}

	var outcome query.RollupOutcome
	var message *query.Message
	group, result, err := s.queries.Mutate(ctx, match.Group.GroupID, func(g *query.QueryGroup) error {
		var err error
		if input.IsIndividualQuery {
			outcome, err = applyItemUpdate(g, itemID, transition)
		} else {
			outcome, err = applyGroupUpdate(g, transition, markedFor, input.SendTo)
		}
		if err != nil {
			return err
		}
		if text := strings.TrimSpace(input.Message); text != "" {
			message = &query.Message{
				ID:        util.NewID("msg"),
				Author:    actor,
				Team:      session.Team,
				Text:      text,
				CreatedAt: at,
			}
			g.Messages = append(g.Messages, *message)
		}
		return nil
	})
	if err != nil {
		return UpdateResult{}, mutateError(err)
	}

	log := s.logger.WithFields(logrus.Fields{
		"groupId":  group.GroupID,
		"appNo":    group.AppNo,
		"itemId":   itemID,
		"status":   status,
		"rollup":   outcome.String(),
		"degraded": result.Degraded,
	})
	if result.Degraded {
		log.Warn("query update stored in cache only")
	} else {
		log.Info("query updated")
	}

	subject := itemID
	if subject == "" {
		subject = strconv.FormatInt(group.GroupID, 10)
	}
	if message != nil {
		event := bus.GroupEvent(group, strconv.FormatInt(group.GroupID, 10), bus.ActionMessageAdded, group.Status, actor)
		event.Timestamp = message.CreatedAt
		event.Device = input.Device
		s.publish(ctx, event)
	}
	if status != "" || markedFor != "" || input.SendTo != nil || transition.ProposedAction != "" || transition.ApproverComment != "" {
		action := bus.ActionUpdated
		eventStatus := group.Status
		if status != "" {
			action = bus.ActionForStatus(status)
			eventStatus = status
		}
		event := bus.GroupEvent(group, subject, action, eventStatus, actor)
		event.Device = input.Device
		s.publish(ctx, event)
	}
	if s.search != nil {
		s.search.IndexGroup(group)
	}

	return UpdateResult{Group: group, ItemID: itemID, Rollup: outcome.String(), Degraded: result.Degraded}, nil
}

func applyItemUpdate(g *query.QueryGroup, itemID string, t query.Transition) (query.RollupOutcome, error) {
	idx := g.ItemIndex(itemID)
	if idx < 0 {
		return query.RollupUnchanged, fmt.Errorf("item %s: %w", itemID, query.ErrNotFound)
	}
	item := &g.Items[idx]
	if t.To == "" {
		if t.ProposedAction != "" {
			item.ProposedAction = t.ProposedAction
		}
		if t.ApproverComment != "" {
			item.ApproverComment = t.ApproverComment
		}
		return query.RollupUnchanged, nil
	}
	if err := query.ApplyTransition(item, t); err != nil {
		return query.RollupUnchanged, err
	}
	return query.Rollup(g, idx)
}

// applyGroupUpdate changes routing and, when a status is given, moves every
// open item to it. Reverting to pending reopens the closed items instead.
// The group status itself is only ever derived.
func applyGroupUpdate(g *query.QueryGroup, t query.Transition, markedFor query.Team, sendTo TeamList) (query.RollupOutcome, error) {
	if markedFor != "" {
		g.MarkedForTeam = markedFor
	}
	if sendTo != nil {
		g.SendTo = []query.Team(sendTo)
		g.SendToSales, g.SendToCredit = false, false
		for _, team := range sendTo {
			g.SendToSales = g.SendToSales || team == query.TeamSales
			g.SendToCredit = g.SendToCredit || team == query.TeamCredit
		}
	}
	if t.To == "" {
		return query.RollupUnchanged, nil
	}

	last := -1
	for i := range g.Items {
		item := &g.Items[i]
		reopen := t.To == query.StatusPending
		if reopen != item.Status.IsTerminal() {
			continue
		}
		if err := query.ApplyTransition(item, t); err != nil {
			return query.RollupUnchanged, fmt.Errorf("item %s: %w", item.ID, err)
		}
		last = i
	}
	return query.Rollup(g, last)
}

func resolveError(err error) error {
	var nf *query.NotFoundError
	if errors.As(err, &nf) {
		return notFound("query not found", nf.Candidates)
	}
	if errors.Is(err, query.ErrNotFound) {
		return notFound("query not found", nil)
	}
	return err
}

func mutateError(err error) error {
	switch {
	case errors.Is(err, query.ErrInvalidTransition):
		return validationError(err.Error(), nil)
	case errors.Is(err, query.ErrEmptyGroup):
		return domainError(http.StatusInternalServerError, "INTERNAL", "query group has no items", nil)
	case errors.Is(err, query.ErrNotFound):
		return notFound("query not found", nil)
	}
	return err
}

type SearchResult struct {
	search.Response
	Groups []query.QueryGroup `json:"groups"`
}

// SearchQueries runs a text search and re-loads each hit through the query
// store so the access filter sees current data.
func (s *Service) SearchQueries(ctx context.Context, session Session, text string, limit int) (SearchResult, error) {
	if !s.Can(session.Team, rbac.ActionRead) {
		return SearchResult{}, forbidden("forbidden")
	}
	text = strings.TrimSpace(text)
	if text == "" {
		return SearchResult{}, validationError("q is required", nil)
	}
	if s.search == nil {
		return SearchResult{Response: search.Response{Results: []search.Result{}, Query: text, Engine: search.EngineNone}, Groups: []query.QueryGroup{}}, nil
	}
	resp := s.search.Search(ctx, search.Query{Text: text, Limit: limit})

	results := make([]search.Result, 0, len(resp.Results))
	groups := make([]query.QueryGroup, 0, len(resp.Results))
	for _, hit := range resp.Results {
		group, err := s.queries.Get(ctx, hit.GroupID)
		if err != nil || !s.canView(session, group) {
			continue
		}
		results = append(results, hit)
		groups = append(groups, group)
	}
	resp.Results = results
	resp.Total = len(results)
	return SearchResult{Response: resp, Groups: groups}, nil
}

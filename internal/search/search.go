package search

import (
	"context"
	"strconv"

	"querydesk/api/internal/query"
)

// Result is a single search hit. Hits are re-loaded through the query store
// by the caller, so only identifiers and a snippet are carried.
type Result struct {
	GroupID      int64  `json:"groupId"`
	AppNo        string `json:"appNo"`
	CustomerName string `json:"customerName"`
	Snippet      string `json:"snippet"`
}

// Query describes a search request.
type Query struct {
	Text  string
	Limit int
}

// Response is the envelope returned by the search endpoint.
type Response struct {
	Results []Result `json:"results"`
	Total   int      `json:"total"`
	Query   string   `json:"query"`
	Engine  string   `json:"engine"`
}

// Searcher can execute a full-text search.
type Searcher interface {
	Search(ctx context.Context, q Query) ([]Result, int, error)
	Healthy() bool
}

// GroupRecord is the data we index for a query group.
type GroupRecord struct {
	ID           string   `json:"id"`
	GroupID      int64    `json:"groupId"`
	AppNo        string   `json:"appNo"`
	CustomerName string   `json:"customerName"`
	Branch       string   `json:"branch"`
	BranchCode   string   `json:"branchCode"`
	Status       string   `json:"status"`
	Texts        []string `json:"texts"`
}

func RecordFromGroup(group query.QueryGroup) GroupRecord {
	texts := make([]string, 0, len(group.Items))
	for _, item := range group.Items {
		texts = append(texts, item.Text)
	}
	return GroupRecord{
		ID:           strconv.FormatInt(group.GroupID, 10),
		GroupID:      group.GroupID,
		AppNo:        group.AppNo,
		CustomerName: group.CustomerName,
		Branch:       group.Branch,
		BranchCode:   group.BranchCode,
		Status:       string(group.Status),
		Texts:        texts,
	}
}

package query

import (
	"context"
	"errors"
	"fmt"
	"math"
	"strconv"
	"strings"
)

var ErrAmbiguousItem = errors.New("group matched but item is ambiguous")

type MatchLevel string

const (
	LevelItem  MatchLevel = "item"
	LevelGroup MatchLevel = "group"
)

// Index is one backing store the reconciler can search. Found=false with a
// nil error means the candidate is simply unknown to the index.
type Index interface {
	Name() string
	FindByItemID(ctx context.Context, itemID string) (QueryGroup, bool, error)
	FindByGroupID(ctx context.Context, groupID int64) (QueryGroup, bool, error)
}

type Match struct {
	Group     QueryGroup
	ItemID    string
	Candidate string
	Source    string
	Level     MatchLevel
}

// ItemTarget returns the item a request should mutate. A group-level match
// only names an item when the group holds exactly one.
func (m Match) ItemTarget() (string, error) {
	if m.Level == LevelItem {
		return m.ItemID, nil
	}
	if len(m.Group.Items) == 1 {
		return m.Group.Items[0].ID, nil
	}
	return "", fmt.Errorf("%w: group %d has %d items", ErrAmbiguousItem, m.Group.GroupID, len(m.Group.Items))
}

type NotFoundError struct {
	Candidates []string
	// Cause aggregates index failures seen while searching, if any.
	Cause error
}

func (e *NotFoundError) Error() string {
	msg := fmt.Sprintf("query not found for candidates [%s]", strings.Join(e.Candidates, ", "))
	if e.Cause != nil {
		msg += ": " + e.Cause.Error()
	}
	return msg
}

func (e *NotFoundError) Unwrap() error { return ErrNotFound }

// Candidates expands a caller identifier and an optional original-id hint
// into an ordered, de-duplicated list: raw form, trimmed form, numeric form,
// then the same three for the hint.
func Candidates(raw any, original any) []string {
	out := make([]string, 0, 6)
	seen := map[string]struct{}{}
	add := func(value string) {
		if value == "" {
			return
		}
		if _, ok := seen[value]; ok {
			return
		}
		seen[value] = struct{}{}
		out = append(out, value)
	}
	for _, value := range []any{raw, original} {
		for _, form := range identifierForms(value) {
			add(form)
		}
	}
	return out
}

func identifierForms(value any) []string {
	var text string
	switch v := value.(type) {
	case nil:
		return nil
	case string:
		text = v
	case float64:
		if v == math.Trunc(v) && !math.IsInf(v, 0) {
			text = strconv.FormatInt(int64(v), 10)
		} else {
			text = strconv.FormatFloat(v, 'f', -1, 64)
		}
	case fmt.Stringer:
		text = v.String()
	default:
		text = fmt.Sprint(v)
	}
	forms := []string{text}
	trimmed := strings.TrimSpace(text)
	forms = append(forms, trimmed)
	if n, err := strconv.ParseInt(trimmed, 10, 64); err == nil {
		forms = append(forms, strconv.FormatInt(n, 10))
	}
	return forms
}

// Reconcile searches each index in order. Within an index every candidate is
// tried against the item index and then, when numeric, the group index.
// Index errors are collected and the search moves on.
func Reconcile(ctx context.Context, candidates []string, indexes ...Index) (Match, error) {
	var errs []error
	for _, index := range indexes {
		for _, candidate := range candidates {
			if err := ctx.Err(); err != nil {
				return Match{}, err
			}
			group, ok, err := index.FindByItemID(ctx, candidate)
			if err != nil {
				errs = append(errs, fmt.Errorf("%s item %q: %w", index.Name(), candidate, err))
			} else if ok {
				return Match{Group: group, ItemID: candidate, Candidate: candidate, Source: index.Name(), Level: LevelItem}, nil
			}

			groupID, perr := strconv.ParseInt(candidate, 10, 64)
			if perr != nil {
				continue
			}
			group, ok, err = index.FindByGroupID(ctx, groupID)
			if err != nil {
				errs = append(errs, fmt.Errorf("%s group %d: %w", index.Name(), groupID, err))
				continue
			}
			if ok {
				return Match{Group: group, Candidate: candidate, Source: index.Name(), Level: LevelGroup}, nil
			}
		}
	}
	return Match{}, &NotFoundError{Candidates: append([]string(nil), candidates...), Cause: errors.Join(errs...)}
}

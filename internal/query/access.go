package query

import (
	"regexp"
	"strings"
)

var appNoPrefix = regexp.MustCompile(`^([A-Za-z]{2,4})(?:\s|\d)`)

var branchWildcards = map[string]struct{}{
	"all":               {},
	"*":                 {},
	"all branches":      {},
	"multiple":          {},
	"multiple branches": {},
}

type Branch struct {
	Name    string   `yaml:"name" json:"name"`
	Code    string   `yaml:"code" json:"code"`
	Aliases []string `yaml:"aliases" json:"aliases,omitempty"`
}

// Directory resolves branch names and aliases to branch codes. The zero
// value is usable and matches codes literally.
type Directory struct {
	codes map[string]string
}

func NewDirectory(branches []Branch) Directory {
	codes := make(map[string]string, len(branches)*2)
	for _, branch := range branches {
		code := strings.ToUpper(strings.TrimSpace(branch.Code))
		if code == "" {
			continue
		}
		codes[normalizeBranch(branch.Code)] = code
		if branch.Name != "" {
			codes[normalizeBranch(branch.Name)] = code
		}
		for _, alias := range branch.Aliases {
			if alias != "" {
				codes[normalizeBranch(alias)] = code
			}
		}
	}
	return Directory{codes: codes}
}

// Resolve returns the normalized value itself plus the directory code it maps
// to, if any.
func (d Directory) Resolve(value string) []string {
	key := normalizeBranch(value)
	if key == "" {
		return nil
	}
	out := []string{key}
	if code, ok := d.codes[key]; ok && normalizeBranch(code) != key {
		out = append(out, normalizeBranch(code))
	}
	return out
}

func (d Directory) Len() int { return len(d.codes) }

func normalizeBranch(value string) string {
	return strings.ToLower(strings.Join(strings.Fields(value), " "))
}

// IsBranchWildcard reports whether value means every branch.
func IsBranchWildcard(value string) bool {
	_, ok := branchWildcards[normalizeBranch(value)]
	return ok
}

// HasWildcard reports whether any assignment is a branch wildcard.
func HasWildcard(branches []string) bool {
	for _, branch := range branches {
		if IsBranchWildcard(branch) {
			return true
		}
	}
	return false
}

// ParseBranches splits a comma separated list and drops blanks.
func ParseBranches(raw string) []string {
	var out []string
	for _, part := range strings.Split(raw, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

// AppNoBranchCode infers a branch code from the leading letters of an
// application number, e.g. "GGN100" and "GGN 100" both give "GGN".
func AppNoBranchCode(appNo string) string {
	match := appNoPrefix.FindStringSubmatch(strings.TrimSpace(appNo))
	if len(match) < 2 {
		return ""
	}
	return strings.ToUpper(match[1])
}

// Visible returns the groups a caller may see. Branch scope and team routing
// are evaluated independently and both must pass.
func Visible(groups []QueryGroup, team Team, branches []string, dir Directory) []QueryGroup {
	scope := newBranchScope(team, branches, dir)
	out := make([]QueryGroup, 0, len(groups))
	for _, group := range groups {
		if scope.allows(group) && TeamMayView(team, group) {
			out = append(out, group)
		}
	}
	return out
}

// CanView is Visible for a single group.
func CanView(group QueryGroup, team Team, branches []string, dir Directory) bool {
	return newBranchScope(team, branches, dir).allows(group) && TeamMayView(team, group)
}

// TeamMayView applies team routing only.
func TeamMayView(team Team, group QueryGroup) bool {
	if team.Unrestricted() {
		return true
	}
	return group.RoutedTo(team)
}

type branchScope struct {
	all   bool
	none  bool
	codes map[string]struct{}
	dir   Directory
}

func newBranchScope(team Team, branches []string, dir Directory) branchScope {
	scope := branchScope{dir: dir, codes: map[string]struct{}{}}
	concrete := 0
	for _, branch := range branches {
		if strings.TrimSpace(branch) == "" {
			continue
		}
		if IsBranchWildcard(branch) {
			scope.all = true
			return scope
		}
		concrete++
		for _, code := range dir.Resolve(branch) {
			scope.codes[code] = struct{}{}
		}
	}
	if concrete == 0 {
		if team.Unrestricted() {
			scope.all = true
		} else {
			scope.none = true
		}
	}
	return scope
}

func (s branchScope) allows(group QueryGroup) bool {
	if s.all {
		return true
	}
	if s.none {
		return false
	}
	keys := []string{group.Branch, group.BranchCode, AppNoBranchCode(group.AppNo)}
	for _, key := range keys {
		for _, resolved := range s.dir.Resolve(key) {
			if _, ok := s.codes[resolved]; ok {
				return true
			}
		}
	}
	return false
}

// Filter is the store-side listing filter. Zero fields match everything.
type Filter struct {
	Status   Status
	Team     Team
	Resolved *bool
	AppNo    string
}

func (f Filter) Match(group QueryGroup) bool {
	if f.Status != "" && group.Status != f.Status {
		found := false
		for _, item := range group.Items {
			if item.Status == f.Status {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	if f.Team != "" && f.Team != TeamOperations && f.Team != TeamAdmin && !group.RoutedTo(f.Team) {
		return false
	}
	if f.Resolved != nil && group.Status.IsTerminal() != *f.Resolved {
		return false
	}
	if f.AppNo != "" && !strings.Contains(strings.ToLower(group.AppNo), strings.ToLower(strings.TrimSpace(f.AppNo))) {
		return false
	}
	return true
}

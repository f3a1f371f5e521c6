package dispatch

import (
	"fmt"
	"regexp"
	"strings"
)

// BranchMatcher extracts ticket ids from branch names.
type BranchMatcher struct {
	re    *regexp.Regexp
	group int
}

// NewBranchMatcher compiles pattern. The ticket id is taken from the group
// named "ticket", or the first group when none is named.
func NewBranchMatcher(pattern string) (*BranchMatcher, error) {
	re, err := regexp.Compile(pattern)
	if err != nil {
		return nil, fmt.Errorf("compiling ticket branch pattern: %w", err)
	}
	if re.NumSubexp() == 0 {
		return nil, fmt.Errorf("ticket branch pattern %q has no capture group", pattern)
	}
	group := re.SubexpIndex("ticket")
	if group < 0 {
		group = 1
	}
	return &BranchMatcher{re: re, group: group}, nil
}

// TicketID returns the upper-cased ticket id in branch, or "".
func (m *BranchMatcher) TicketID(branch string) string {
	if m == nil || branch == "" {
		return ""
	}
	match := m.re.FindStringSubmatch(branch)
	if match == nil {
		return ""
	}
	return strings.ToUpper(match[m.group])
}

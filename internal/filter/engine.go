// Package filter implements the keyword matching engine for rule groups.
package filter

import (
	"fmt"
	"regexp"
	"strings"
	"sync"

	"leadradar/internal/model"
)

// GroupMatch is the result of matching one rule group against a message.
type GroupMatch struct {
	Group    model.RuleGroup
	Keywords []string
}

// Match returns the keywords of g found in text, in the group's order and
// original spelling. Keywords match as case-insensitive substrings, so a
// keyword also matches inside longer words. Any stop word found as a whole
// word suppresses the match entirely.
func Match(text string, g model.RuleGroup) []string {
	if strings.TrimSpace(text) == "" {
		return nil
	}
	lower := strings.ToLower(text)

	var matched []string
	seen := make(map[string]struct{}, len(g.Keywords))
	for _, kw := range g.Keywords {
		needle := strings.ToLower(strings.TrimSpace(kw))
		if needle == "" {
			continue
		}
		if _, ok := seen[needle]; ok {
			continue
		}
		if strings.Contains(lower, needle) {
			seen[needle] = struct{}{}
			matched = append(matched, strings.TrimSpace(kw))
		}
	}
	if len(matched) == 0 {
		return nil
	}

	if hasStopWord(text, g.StopWords) {
		return nil
	}
	return matched
}

// MatchGroups evaluates every active group independently and returns the
// groups that matched, in input order.
func MatchGroups(text string, groups []model.RuleGroup) []GroupMatch {
	var out []GroupMatch
	for _, g := range groups {
		if !g.IsActive {
			continue
		}
		if kws := Match(text, g); len(kws) > 0 {
			out = append(out, GroupMatch{Group: g, Keywords: kws})
		}
	}
	return out
}

// Validate checks that a rule group can match anything.
func Validate(g model.RuleGroup) error {
	if strings.TrimSpace(g.Name) == "" {
		return fmt.Errorf("rule group name is required")
	}
	for _, kw := range g.Keywords {
		if strings.TrimSpace(kw) != "" {
			return nil
		}
	}
	return fmt.Errorf("rule group %q has no keywords", g.Name)
}

func hasStopWord(text string, words []string) bool {
	for _, w := range words {
		w = strings.TrimSpace(w)
		if w == "" {
			continue
		}
		if stopWordRegexp(w).MatchString(text) {
			return true
		}
	}
	return false
}

var stopWordCache sync.Map // string -> *regexp.Regexp

// stopWordRegexp builds a case-insensitive whole-word pattern. RE2's \b only
// knows ASCII word characters, so boundaries are spelled out for Unicode text.
func stopWordRegexp(word string) *regexp.Regexp {
	if re, ok := stopWordCache.Load(word); ok {
		return re.(*regexp.Regexp)
	}
	re := regexp.MustCompile(`(?i)(?:^|[^\p{L}\p{N}_])` + regexp.QuoteMeta(word) + `(?:$|[^\p{L}\p{N}_])`)
	stopWordCache.Store(word, re)
	return re
}

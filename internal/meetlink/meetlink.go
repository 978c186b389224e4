// Package meetlink finds video-meeting join links in free-form event text.
package meetlink

import (
	"regexp"
	"strings"
)

// Matcher recognizes one meeting tool's URL shape.
type Matcher struct {
	Name    string
	pattern *regexp.Regexp
}

// NewMatcher compiles a case-insensitive matcher. The expression should
// match the link with or without a leading scheme.
func NewMatcher(name, expr string) Matcher {
	return Matcher{Name: name, pattern: regexp.MustCompile(`(?i)` + expr)}
}

// FindIndex returns the position of the leftmost match in text, or nil.
func (m Matcher) FindIndex(text string) []int {
	return m.pattern.FindStringIndex(text)
}

// DefaultMatchers covers Google Meet short codes, Zoom join URLs and Teams
// meetup-join URLs.
var DefaultMatchers = []Matcher{
	NewMatcher("google-meet", `(https?://)?meet\.google\.com/[a-z]{3}-[a-z]{4}-[a-z]{3}`),
	NewMatcher("zoom", `(https?://)?([a-z0-9-]+\.)?zoom\.us/j/\d+(\?pwd=[A-Za-z0-9._-]+)?`),
	NewMatcher("teams", `(https?://)?teams\.microsoft\.com/l/meetup-join/[^\s"<>]+`),
}

// Extractor tries its matchers against the text and keeps the match that
// appears first in the text. Matchers earlier in the list win ties.
type Extractor struct {
	matchers []Matcher
}

func NewExtractor(matchers ...Matcher) *Extractor {
	if len(matchers) == 0 {
		matchers = DefaultMatchers
	}
	return &Extractor{matchers: matchers}
}

// Find returns the first meeting link found in texts (joined by spaces),
// normalized to carry an https scheme.
func (x *Extractor) Find(texts ...string) (string, bool) {
	text := strings.Join(texts, " ")
	best := []int(nil)
	for _, m := range x.matchers {
		loc := m.FindIndex(text)
		if loc == nil {
			continue
		}
		if best == nil || loc[0] < best[0] {
			best = loc
		}
	}
	if best == nil {
		return "", false
	}
	return Normalize(text[best[0]:best[1]]), true
}

// Normalize prefixes https:// to a link that lacks a scheme.
func Normalize(link string) string {
	lower := strings.ToLower(link)
	if strings.HasPrefix(lower, "http://") || strings.HasPrefix(lower, "https://") {
		return link
	}
	return "https://" + link
}

// Resolve picks the explicit provider link when present, else scans texts.
func (x *Extractor) Resolve(explicit string, texts ...string) *string {
	if explicit = strings.TrimSpace(explicit); explicit != "" {
		return &explicit
	}
	if link, ok := x.Find(texts...); ok {
		return &link
	}
	return nil
}

package meetlink

import "testing"

func TestExtractorFind(t *testing.T) {
	x := NewExtractor()
	cases := []struct {
		name  string
		texts []string
		want  string
		found bool
	}{
		{"meet without scheme", []string{"Join at meet.google.com/abc-defg-hij please", ""}, "https://meet.google.com/abc-defg-hij", true},
		{"zoom with scheme", []string{"", "https://us02web.zoom.us/j/123456789"}, "https://us02web.zoom.us/j/123456789", true},
		{"teams", []string{`<a href="https://teams.microsoft.com/l/meetup-join/19%3ameeting_x">join</a>`}, "https://teams.microsoft.com/l/meetup-join/19%3ameeting_x", true},
		{"case insensitive", []string{"MEET.GOOGLE.COM/ABC-DEFG-HIJ"}, "https://MEET.GOOGLE.COM/ABC-DEFG-HIJ", true},
		{"first in text wins", []string{"zoom.us/j/42 then meet.google.com/abc-defg-hij"}, "https://zoom.us/j/42", true},
		{"nothing", []string{"Room 4B", "bring snacks"}, "", false},
		{"malformed meet code", []string{"meet.google.com/abc-de-hij"}, "", false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got, ok := x.Find(tc.texts...)
			if ok != tc.found || got != tc.want {
				t.Fatalf("Find() = %q, %v; want %q, %v", got, ok, tc.want, tc.found)
			}
		})
	}
}

func TestResolvePrefersExplicitLink(t *testing.T) {
	x := NewExtractor()
	got := x.Resolve("https://meet.google.com/xyz-wxyz-xyz", "zoom.us/j/1")
	if got == nil || *got != "https://meet.google.com/xyz-wxyz-xyz" {
		t.Fatalf("expected explicit link, got %v", got)
	}
	if got := x.Resolve("", "no links here"); got != nil {
		t.Fatalf("expected nil, got %q", *got)
	}
}

func TestCustomMatcherOrder(t *testing.T) {
	x := NewExtractor(NewMatcher("webex", `(https?://)?[a-z0-9-]+\.webex\.com/meet/[a-z0-9.]+`))
	got, ok := x.Find("dial acme.webex.com/meet/jdoe")
	if !ok || got != "https://acme.webex.com/meet/jdoe" {
		t.Fatalf("got %q, %v", got, ok)
	}
	if _, ok := x.Find("meet.google.com/abc-defg-hij"); ok {
		t.Fatal("custom extractor should not use default matchers")
	}
}

package icloud

import (
	"context"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/emersion/go-ical"

	"alarmsync/internal/models"
)

var testFloor = time.Date(2026, 10, 17, 0, 0, 0, 0, time.UTC)

const testCalendar = `BEGIN:VCALENDAR
VERSION:2.0
PRODID:-//alarmsync//test//EN
BEGIN:VEVENT
UID:single
DTSTAMP:20261001T000000Z
DTSTART:20261017T150000Z
DTEND:20261017T160000Z
SUMMARY:Design review
DESCRIPTION:Join at zoom.us/j/123?pwd=abc
END:VEVENT
BEGIN:VEVENT
UID:weekly
DTSTAMP:20261001T000000Z
DTSTART:20261019T090000Z
DTEND:20261019T093000Z
SUMMARY:Standup
RRULE:FREQ=WEEKLY;COUNT=3
END:VEVENT
BEGIN:VEVENT
UID:weekly
DTSTAMP:20261001T000000Z
RECURRENCE-ID:20261026T090000Z
DTSTART:20261026T100000Z
DTEND:20261026T103000Z
SUMMARY:Standup (moved)
END:VEVENT
BEGIN:VEVENT
UID:dropped
DTSTAMP:20261001T000000Z
DTSTART:20261018T090000Z
DTEND:20261018T100000Z
STATUS:CANCELLED
END:VEVENT
BEGIN:VEVENT
UID:holiday
DTSTAMP:20261001T000000Z
DTSTART;VALUE=DATE:20261020
DTEND;VALUE=DATE:20261021
END:VEVENT
END:VCALENDAR
`

func decodeCalendar(t *testing.T, text string) *ical.Calendar {
	t.Helper()
	text = strings.ReplaceAll(text, "\n", "\r\n")
	cal, err := ical.NewDecoder(strings.NewReader(text)).Decode()
	if err != nil {
		t.Fatalf("decode calendar: %v", err)
	}
	return cal
}

func TestNormalizeExpandsRecurrences(t *testing.T) {
	events := NewNormalizer(nil).Normalize(decodeCalendar(t, testCalendar), testFloor, testFloor.Add(30*24*time.Hour))

	byID := make(map[string]models.Event, len(events))
	for _, ev := range events {
		byID[ev.ExternalID] = ev
	}
	want := []string{
		"single",
		"weekly_20261019T090000Z",
		"weekly_20261026T090000Z",
		"weekly_20261102T090000Z",
		"holiday",
	}
	if len(events) != len(want) {
		t.Fatalf("got %d events %v, want %v", len(events), keys(byID), want)
	}
	for _, id := range want {
		if _, ok := byID[id]; !ok {
			t.Fatalf("missing %s in %v", id, keys(byID))
		}
	}

	single := byID["single"]
	if single.Start != "2026-10-17T15:00:00Z" || single.End != "2026-10-17T16:00:00Z" {
		t.Fatalf("unexpected raw times %q %q", single.Start, single.End)
	}
	if single.MeetingLink == nil || *single.MeetingLink != "https://zoom.us/j/123?pwd=abc" {
		t.Fatalf("unexpected meeting link %v", single.MeetingLink)
	}

	moved := byID["weekly_20261026T090000Z"]
	if moved.Title != "Standup (moved)" || !moved.StartAt.Equal(time.Date(2026, 10, 26, 10, 0, 0, 0, time.UTC)) {
		t.Fatalf("override not applied: %+v", moved)
	}
	last := byID["weekly_20261102T090000Z"]
	if last.Start != "2026-11-02T09:00:00Z" || last.End != "2026-11-02T09:30:00Z" {
		t.Fatalf("unexpected occurrence times %q %q", last.Start, last.End)
	}

	holiday := byID["holiday"]
	if !holiday.AllDay || holiday.Start != "2026-10-20" || holiday.End != "2026-10-21" || holiday.Title != untitled {
		t.Fatalf("unexpected all-day event %+v", holiday)
	}
	for _, ev := range events {
		if !ev.Persistable() {
			t.Fatalf("event %s should be persistable", ev.ExternalID)
		}
	}
}

func TestNormalizeHonorsWindow(t *testing.T) {
	until := testFloor.Add(5 * 24 * time.Hour)
	events := NewNormalizer(nil).Normalize(decodeCalendar(t, testCalendar), testFloor, until)
	for _, ev := range events {
		if ev.StartAt.Before(testFloor) || !ev.StartAt.Before(until) {
			t.Fatalf("event %s at %v outside window", ev.ExternalID, ev.StartAt)
		}
	}
	if len(events) != 3 {
		t.Fatalf("expected single, first standup and holiday, got %d", len(events))
	}
}

func keys(m map[string]models.Event) []string {
	out := make([]string, 0, len(m))
	for k := range m {
		out = append(out, k)
	}
	return out
}

func newStatusServer(t *testing.T, code int) (*httptest.Server, *string) {
	t.Helper()
	var gotUser string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotUser, _, _ = r.BasicAuth()
		w.WriteHeader(code)
	}))
	t.Cleanup(srv.Close)
	return srv, &gotUser
}

func testFetcher() *Fetcher {
	return NewFetcher(slog.New(slog.NewTextHandler(io.Discard, nil)), nil, 0)
}

func TestFetchUnauthorized(t *testing.T) {
	srv, user := newStatusServer(t, http.StatusUnauthorized)
	src := models.Source{Email: "me@icloud.com", AccessToken: "app-password", Provider: models.ProviderCalDAV, ServerURL: srv.URL}

	res := testFetcher().Fetch(context.Background(), src, testFloor)
	if res.Status != models.FetchUnauthorized {
		t.Fatalf("expected unauthorized, got %s: %v", res.Status, res.Err)
	}
	if *user != "me@icloud.com" {
		t.Fatalf("basic auth user = %q", *user)
	}
	if len(res.Events) != 0 {
		t.Fatal("failed source must not carry events")
	}
}

func TestFetchProviderError(t *testing.T) {
	srv, _ := newStatusServer(t, http.StatusInternalServerError)
	src := models.Source{Email: "me@icloud.com", AccessToken: "app-password", Provider: models.ProviderCalDAV, ServerURL: srv.URL}

	res := testFetcher().Fetch(context.Background(), src, testFloor)
	if res.Status != models.FetchProviderError {
		t.Fatalf("expected provider error, got %s: %v", res.Status, res.Err)
	}
}

package google

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"google.golang.org/api/calendar/v3"

	"alarmsync/internal/models"
)

type savedToken struct {
	accountID string
	token     string
}

type fakeTokenStore struct {
	mu    sync.Mutex
	saved []savedToken
}

func (s *fakeTokenStore) SaveAccessToken(_ context.Context, id, token string, _ time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.saved = append(s.saved, savedToken{id, token})
	return nil
}

// fakeGoogle serves the token, userinfo and events endpoints. The first page
// accepts any token; the second page only accepts the refreshed one.
type fakeGoogle struct {
	mu       sync.Mutex
	requests []string
}

func (g *fakeGoogle) record(r *http.Request) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.requests = append(g.requests, r.Header.Get("Authorization")+" page="+r.URL.Query().Get("pageToken"))
}

func (g *fakeGoogle) handler(t *testing.T) http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/token", func(w http.ResponseWriter, r *http.Request) {
		if err := r.ParseForm(); err != nil {
			t.Errorf("parse form: %v", err)
		}
		w.Header().Set("Content-Type", "application/json")
		if r.PostForm.Get("grant_type") != "refresh_token" || r.PostForm.Get("refresh_token") != "good-refresh" {
			w.WriteHeader(http.StatusBadRequest)
			_, _ = io.WriteString(w, `{"error":"invalid_grant"}`)
			return
		}
		_, _ = io.WriteString(w, `{"access_token":"fresh","token_type":"Bearer","expires_in":3600}`)
	})
	mux.HandleFunc("/oauth2/v2/userinfo", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		if r.Header.Get("Authorization") != "Bearer session" {
			writeAPIError(w, http.StatusUnauthorized)
			return
		}
		_, _ = io.WriteString(w, `{"email":"  Me@Example.COM "}`)
	})
	mux.HandleFunc("/calendar/v3/calendars/primary/events", func(w http.ResponseWriter, r *http.Request) {
		g.record(r)
		q := r.URL.Query()
		if q.Get("singleEvents") != "true" || q.Get("orderBy") != "startTime" || q.Get("timeMin") == "" {
			t.Errorf("unexpected query %s", r.URL.RawQuery)
		}
		auth := r.Header.Get("Authorization")
		w.Header().Set("Content-Type", "application/json")
		switch {
		case auth == "Bearer broken":
			writeAPIError(w, http.StatusInternalServerError)
		case q.Get("pageToken") == "":
			_ = json.NewEncoder(w).Encode(calendar.Events{
				Items: []*calendar.Event{
					{Id: "a", Summary: "Planning", Start: &calendar.EventDateTime{DateTime: "2026-10-17T15:00:00Z"}, End: &calendar.EventDateTime{DateTime: "2026-10-17T16:00:00Z"}, HangoutLink: "https://meet.google.com/abc-defg-hij"},
					{Id: "gone", Status: "cancelled"},
				},
				NextPageToken: "p2",
			})
		case auth != "Bearer fresh":
			writeAPIError(w, http.StatusUnauthorized)
		default:
			_ = json.NewEncoder(w).Encode(calendar.Events{
				Items: []*calendar.Event{
					{Id: "b", Start: &calendar.EventDateTime{Date: "2026-10-18"}, End: &calendar.EventDateTime{Date: "2026-10-19"}, Description: "dial zoom.us/j/987"},
				},
			})
		}
	})
	return mux
}

func writeAPIError(w http.ResponseWriter, code int) {
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(map[string]any{"error": map[string]any{"code": code, "message": http.StatusText(code)}})
}

func newTestOptions(srv *httptest.Server) Options {
	return Options{
		ClientID:         "client",
		ClientSecret:     "secret",
		CalendarEndpoint: srv.URL + "/calendar/v3/",
		UserinfoEndpoint: srv.URL + "/",
		TokenURL:         srv.URL + "/token",
		HTTPClient:       srv.Client(),
	}
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newTestFetcher(t *testing.T) (*Fetcher, *fakeGoogle, *fakeTokenStore) {
	t.Helper()
	g := &fakeGoogle{}
	srv := httptest.NewServer(g.handler(t))
	t.Cleanup(srv.Close)
	opts := newTestOptions(srv)
	store := &fakeTokenStore{}
	refresher, err := NewRefresher(testLogger(), opts, store)
	if err != nil {
		t.Fatalf("new refresher: %v", err)
	}
	return NewFetcher(testLogger(), opts, refresher, nil), g, store
}

func strPtr(s string) *string { return &s }

func TestFetchRefreshesAndRetriesSamePage(t *testing.T) {
	f, g, store := newTestFetcher(t)
	src := models.Source{AccountID: "acc-1", Email: "me@example.com", AccessToken: "stale", RefreshToken: strPtr("good-refresh")}

	res := f.Fetch(context.Background(), src, StartOfDay(time.Now()))
	if !res.OK() {
		t.Fatalf("expected ok, got %s: %v", res.Status, res.Err)
	}
	if len(res.Events) != 2 {
		t.Fatalf("expected 2 events (cancelled dropped), got %d", len(res.Events))
	}
	if res.Events[0].MeetingLink == nil || *res.Events[0].MeetingLink != "https://meet.google.com/abc-defg-hij" {
		t.Fatalf("unexpected meeting link %v", res.Events[0].MeetingLink)
	}
	if !res.Events[1].AllDay || res.Events[1].Title != untitled {
		t.Fatalf("unexpected all-day event %+v", res.Events[1])
	}
	if res.Events[1].MeetingLink == nil || *res.Events[1].MeetingLink != "https://zoom.us/j/987" {
		t.Fatalf("expected inferred zoom link, got %v", res.Events[1].MeetingLink)
	}

	want := []string{"Bearer stale page=", "Bearer stale page=p2", "Bearer fresh page=p2"}
	if strings.Join(g.requests, "|") != strings.Join(want, "|") {
		t.Fatalf("requests = %v, want %v", g.requests, want)
	}
	if len(store.saved) != 1 || store.saved[0] != (savedToken{"acc-1", "fresh"}) {
		t.Fatalf("unexpected persisted tokens %+v", store.saved)
	}
}

func TestFetchUnauthorizedWithoutRefreshToken(t *testing.T) {
	f, _, store := newTestFetcher(t)
	src := models.Source{AccountID: "acc-1", Email: "me@example.com", AccessToken: "stale"}

	res := f.Fetch(context.Background(), src, StartOfDay(time.Now()))
	if res.Status != models.FetchUnauthorized {
		t.Fatalf("expected unauthorized, got %s", res.Status)
	}
	if len(res.Events) != 0 {
		t.Fatalf("failed source must not return partial events, got %d", len(res.Events))
	}
	if len(store.saved) != 0 {
		t.Fatal("nothing should be persisted")
	}
}

func TestFetchRejectedRefreshToken(t *testing.T) {
	f, g, _ := newTestFetcher(t)
	src := models.Source{AccountID: "acc-1", Email: "me@example.com", AccessToken: "stale", RefreshToken: strPtr("revoked")}

	res := f.Fetch(context.Background(), src, StartOfDay(time.Now()))
	if res.Status != models.FetchUnauthorized || !errors.Is(res.Err, ErrRefreshRejected) {
		t.Fatalf("expected rejected refresh, got %s: %v", res.Status, res.Err)
	}
	if len(g.requests) != 2 {
		t.Fatalf("refresh failure must not be retried, requests = %v", g.requests)
	}
}

func TestFetchProviderError(t *testing.T) {
	f, _, _ := newTestFetcher(t)
	res := f.Fetch(context.Background(), models.Source{Email: "x@example.com", AccessToken: "broken"}, StartOfDay(time.Now()))
	if res.Status != models.FetchProviderError {
		t.Fatalf("expected provider error, got %s", res.Status)
	}
}

func TestRefresherWithoutRefreshToken(t *testing.T) {
	r := &Refresher{logger: testLogger()}
	if _, err := r.Refresh(context.Background(), models.Source{Email: "x@example.com"}); !errors.Is(err, ErrNoRefreshToken) {
		t.Fatalf("expected ErrNoRefreshToken, got %v", err)
	}
}

func TestIdentityLookupEmail(t *testing.T) {
	srv := httptest.NewServer((&fakeGoogle{}).handler(t))
	t.Cleanup(srv.Close)
	id := NewIdentity(newTestOptions(srv))

	email, err := id.LookupEmail(context.Background(), "session")
	if err != nil {
		t.Fatalf("lookup: %v", err)
	}
	if email != "me@example.com" {
		t.Fatalf("email = %q", email)
	}
	if _, err := id.LookupEmail(context.Background(), "nope"); !errors.Is(err, ErrUnauthorized) {
		t.Fatalf("expected ErrUnauthorized, got %v", err)
	}
}

func TestNormalizeTimesAndLinks(t *testing.T) {
	n := NewNormalizer(nil)
	ev, ok := n.Normalize(&calendar.Event{
		Id:       "x",
		Summary:  "Sync",
		Start:    &calendar.EventDateTime{DateTime: "2026-10-17T10:00:00+02:00"},
		End:      &calendar.EventDateTime{DateTime: "2026-10-17T11:00:00+02:00"},
		Location: "teams.microsoft.com/l/meetup-join/abc",
		ConferenceData: &calendar.ConferenceData{EntryPoints: []*calendar.EntryPoint{
			{EntryPointType: "phone", Uri: "tel:+1"},
			{EntryPointType: "video", Uri: "https://meet.google.com/xyz-abcd-efg"},
		}},
	})
	if !ok {
		t.Fatal("expected event")
	}
	if !ev.StartAt.Equal(time.Date(2026, 10, 17, 8, 0, 0, 0, time.UTC)) || ev.AllDay {
		t.Fatalf("unexpected start %v allDay=%v", ev.StartAt, ev.AllDay)
	}
	if *ev.MeetingLink != "https://meet.google.com/xyz-abcd-efg" {
		t.Fatalf("conference entry point should win, got %q", *ev.MeetingLink)
	}
	if !ev.Persistable() {
		t.Fatal("expected persistable event")
	}

	partial, ok := n.Normalize(&calendar.Event{Id: "y", Start: &calendar.EventDateTime{DateTime: "2026-10-17T10:00:00Z"}})
	if !ok {
		t.Fatal("event without end is still normalized")
	}
	if partial.Persistable() {
		t.Fatal("event without end must not be persistable")
	}
}

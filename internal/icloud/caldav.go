package icloud

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"slices"
	"strings"
	"sync/atomic"
	"time"

	"github.com/emersion/go-webdav/caldav"

	"alarmsync/internal/models"
)

const (
	iCloudCalDAVEndpoint = "https://caldav.icloud.com/"
	userAgent            = "alarmsync/1.0"
)

// ErrUnauthorized means the CalDAV server rejected the credentials.
var ErrUnauthorized = errors.New("caldav: unauthorized")

// customTransport handles adding Basic Auth and custom headers to requests.
// It remembers whether the server ever answered 401.
type customTransport struct {
	Username     string
	Password     string
	Transport    http.RoundTripper
	unauthorized atomic.Bool
}

// RoundTrip adds required headers and authentication to each request.
func (t *customTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	req = req.Clone(req.Context())
	req.SetBasicAuth(t.Username, t.Password)
	req.Header.Set("User-Agent", userAgent)
	resp, err := t.Transport.RoundTrip(req)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode == http.StatusUnauthorized {
		t.unauthorized.Store(true)
		resp.Body.Close()
		return nil, ErrUnauthorized
	}
	return resp, nil
}

// Fetcher reads events from CalDAV accounts (iCloud by default). CalDAV
// accounts carry an app-specific password as their access token and cannot
// be refreshed, so a 401 ends the source.
type Fetcher struct {
	logger     *slog.Logger
	normalizer *Normalizer
	horizon    time.Duration
	transport  http.RoundTripper
}

func NewFetcher(logger *slog.Logger, normalizer *Normalizer, horizon time.Duration) *Fetcher {
	if normalizer == nil {
		normalizer = NewNormalizer(nil)
	}
	if horizon <= 0 {
		horizon = 30 * 24 * time.Hour
	}
	return &Fetcher{logger: logger, normalizer: normalizer, horizon: horizon, transport: http.DefaultTransport}
}

// Fetch returns all non-cancelled occurrences in [floor, floor+horizon)
// across the account's event calendars.
func (f *Fetcher) Fetch(ctx context.Context, src models.Source, floor time.Time) models.FetchResult {
	endpoint := src.ServerURL
	if endpoint == "" {
		endpoint = iCloudCalDAVEndpoint
	}
	transport := &customTransport{Username: src.Email, Password: src.AccessToken, Transport: f.transport}
	client, err := caldav.NewClient(&http.Client{Transport: transport}, endpoint)
	if err != nil {
		return models.Failed(models.FetchProviderError, fmt.Errorf("failed to create caldav client: %w", err))
	}

	fail := func(err error) models.FetchResult {
		switch {
		case transport.unauthorized.Load() || errors.Is(err, ErrUnauthorized):
			return models.Failed(models.FetchUnauthorized, fmt.Errorf("%w: %v", ErrUnauthorized, err))
		case ctx.Err() != nil:
			return models.Failed(models.FetchTimeout, ctx.Err())
		default:
			return models.Failed(models.FetchProviderError, err)
		}
	}

	paths, err := f.findCalendars(ctx, client)
	if err != nil {
		return fail(err)
	}

	until := floor.Add(f.horizon)
	query := &caldav.CalendarQuery{
		CompRequest: caldav.CalendarCompRequest{
			Name:  "VCALENDAR",
			Comps: []caldav.CalendarCompRequest{{Name: "VEVENT", AllProps: true}},
		},
		CompFilter: caldav.CompFilter{
			Name:  "VCALENDAR",
			Comps: []caldav.CompFilter{{Name: "VEVENT", Start: floor, End: until}},
		},
	}

	var events []models.Event
	for _, p := range paths {
		objects, err := client.QueryCalendar(ctx, p, query)
		if err != nil {
			return fail(fmt.Errorf("failed to query calendar %s: %w", p, err))
		}
		for _, obj := range objects {
			if obj.Data == nil {
				continue
			}
			events = append(events, f.normalizer.Normalize(obj.Data, floor, until)...)
		}
	}

	f.logger.Info("Successfully fetched events from CalDAV", "email", src.Email, "calendars", len(paths), "count", len(events))
	return models.FetchResult{Status: models.FetchOK, Events: events}
}

// findCalendars discovers the user's calendars and returns the paths of
// those that hold events.
func (f *Fetcher) findCalendars(ctx context.Context, client *caldav.Client) ([]string, error) {
	principalPath, err := client.FindCurrentUserPrincipal(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to find principal path: %w", err)
	}

	homeSetPath, err := client.FindCalendarHomeSet(ctx, principalPath)
	if err != nil {
		return nil, fmt.Errorf("failed to find calendar home set: %w", err)
	}

	calendars, err := client.FindCalendars(ctx, homeSetPath)
	if err != nil {
		return nil, fmt.Errorf("failed to find calendars: %w", err)
	}

	var paths []string
	for _, cal := range calendars {
		if len(cal.SupportedComponentSet) > 0 && !slices.ContainsFunc(cal.SupportedComponentSet, func(c string) bool {
			return strings.EqualFold(c, "VEVENT")
		}) {
			continue
		}
		paths = append(paths, cal.Path)
	}
	return paths, nil
}

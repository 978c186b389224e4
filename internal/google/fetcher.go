package google

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"google.golang.org/api/calendar/v3"

	"alarmsync/internal/models"
)

const pageSize = 250

// TokenRefresher is satisfied by *Refresher.
type TokenRefresher interface {
	Refresh(ctx context.Context, src models.Source) (string, error)
}

// Fetcher lists an account's upcoming events page by page.
type Fetcher struct {
	opts       Options
	refresher  TokenRefresher
	normalizer *Normalizer
	logger     *slog.Logger
}

func NewFetcher(logger *slog.Logger, opts Options, refresher TokenRefresher, normalizer *Normalizer) *Fetcher {
	if normalizer == nil {
		normalizer = NewNormalizer(nil)
	}
	return &Fetcher{opts: opts, refresher: refresher, normalizer: normalizer, logger: logger}
}

// Fetch returns every non-cancelled event starting at or after floor.
// A 401 triggers at most one refresh, after which the same page is retried;
// pages already read are kept. Any failure discards the whole source.
func (f *Fetcher) Fetch(ctx context.Context, src models.Source, floor time.Time) models.FetchResult {
	token := src.AccessToken
	refreshed := false
	pageToken := ""
	var items []*calendar.Event

	for {
		f.logger.Debug("Requesting events page", "email", src.Email, "page_token", pageToken != "")
		page, err := f.listPage(ctx, token, floor, pageToken)
		if isUnauthorized(err) {
			if refreshed || !src.HasRefreshToken() || f.refresher == nil {
				return models.Failed(models.FetchUnauthorized, fmt.Errorf("%w: %v", ErrUnauthorized, err))
			}
			f.logger.Info("Access token rejected, attempting refresh.", "email", src.Email)
			newToken, rerr := f.refresher.Refresh(ctx, src)
			if rerr != nil {
				return models.Failed(models.FetchUnauthorized, rerr)
			}
			token = newToken
			refreshed = true
			continue
		}
		if err != nil {
			if ctx.Err() != nil {
				return models.Failed(models.FetchTimeout, fmt.Errorf("failed to retrieve events: %w", ctx.Err()))
			}
			return models.Failed(models.FetchProviderError, fmt.Errorf("failed to retrieve events: %w", err))
		}

		items = append(items, page.Items...)
		if page.NextPageToken == "" {
			break
		}
		pageToken = page.NextPageToken
	}

	events := f.normalizer.NormalizeAll(items)
	f.logger.Info("Successfully fetched events from Google Calendar", "email", src.Email, "count", len(events))
	return models.FetchResult{Status: models.FetchOK, Events: events}
}

func (f *Fetcher) listPage(ctx context.Context, token string, floor time.Time, pageToken string) (*calendar.Events, error) {
	service, err := calendar.NewService(ctx, f.opts.bearerOptions(ctx, token, f.opts.CalendarEndpoint)...)
	if err != nil {
		return nil, fmt.Errorf("failed to create calendar service: %w", err)
	}
	call := service.Events.List(f.opts.calendarID()).
		ShowDeleted(false).
		SingleEvents(true).
		TimeMin(floor.UTC().Format(time.RFC3339)).
		OrderBy("startTime").
		MaxResults(pageSize).
		Context(ctx)
	if pageToken != "" {
		call = call.PageToken(pageToken)
	}
	return call.Do()
}

// StartOfDay returns midnight UTC of t's day, the inclusive fetch floor.
func StartOfDay(t time.Time) time.Time {
	y, m, d := t.UTC().Date()
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
}

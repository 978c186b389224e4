package google

import (
	"strings"
	"time"

	"google.golang.org/api/calendar/v3"

	"alarmsync/internal/meetlink"
	"alarmsync/internal/models"
)

const untitled = "(No Title)"

// Normalizer converts Google Calendar events to the internal Event model.
type Normalizer struct {
	links *meetlink.Extractor
}

func NewNormalizer(links *meetlink.Extractor) *Normalizer {
	if links == nil {
		links = meetlink.NewExtractor()
	}
	return &Normalizer{links: links}
}

// Normalize maps one provider event. It returns false for cancelled events.
// The returned event may still lack a start or end; callers check
// Persistable before storing it.
func (n *Normalizer) Normalize(item *calendar.Event) (models.Event, bool) {
	if item == nil || item.Status == "cancelled" {
		return models.Event{}, false
	}

	title := item.Summary
	if strings.TrimSpace(title) == "" {
		title = untitled
	}
	start, startAt, allDay := eventTime(item.Start)
	end, endAt, _ := eventTime(item.End)

	return models.Event{
		ExternalID:  item.Id,
		Title:       title,
		Description: item.Description,
		Location:    item.Location,
		Start:       start,
		End:         end,
		StartAt:     startAt,
		EndAt:       endAt,
		AllDay:      allDay,
		HTMLLink:    item.HtmlLink,
		MeetingLink: n.links.Resolve(conferenceLink(item), item.Description, item.Location),
	}, true
}

// NormalizeAll converts a page of provider events, dropping cancelled ones.
func (n *Normalizer) NormalizeAll(items []*calendar.Event) []models.Event {
	events := make([]models.Event, 0, len(items))
	for _, item := range items {
		if ev, ok := n.Normalize(item); ok {
			events = append(events, ev)
		}
	}
	return events
}

// eventTime returns the raw value, its parsed instant (zero when it cannot
// be parsed) and whether the value is an all-day date.
func eventTime(dt *calendar.EventDateTime) (string, time.Time, bool) {
	if dt == nil {
		return "", time.Time{}, false
	}
	if dt.DateTime != "" {
		t, err := time.Parse(time.RFC3339, dt.DateTime)
		if err != nil {
			return dt.DateTime, time.Time{}, false
		}
		return dt.DateTime, t.UTC(), false
	}
	if dt.Date != "" {
		t, err := time.Parse(time.DateOnly, dt.Date)
		if err != nil {
			return dt.Date, time.Time{}, true
		}
		return dt.Date, t, true
	}
	return "", time.Time{}, false
}

// conferenceLink returns the provider-supplied join link, if any.
func conferenceLink(item *calendar.Event) string {
	if item.HangoutLink != "" {
		return item.HangoutLink
	}
	if item.ConferenceData != nil {
		for _, ep := range item.ConferenceData.EntryPoints {
			if ep != nil && ep.EntryPointType == "video" && ep.Uri != "" {
				return ep.Uri
			}
		}
	}
	return ""
}

package icloud

import (
	"strings"
	"time"

	"github.com/emersion/go-ical"
	"github.com/teambition/rrule-go"

	"alarmsync/internal/meetlink"
	"alarmsync/internal/models"
)

const (
	untitled               = "(No Title)"
	propConference         = "X-GOOGLE-CONFERENCE"
	occurrenceIDLayout     = "20060102T150405Z"
	maxOccurrencesPerEvent = 500
)

// Normalizer converts iCalendar events to the internal Event model,
// expanding recurring events into single occurrences.
type Normalizer struct {
	links *meetlink.Extractor
}

func NewNormalizer(links *meetlink.Extractor) *Normalizer {
	if links == nil {
		links = meetlink.NewExtractor()
	}
	return &Normalizer{links: links}
}

// Normalize returns the non-cancelled occurrences of cal's events that start
// in [from, until).
func (n *Normalizer) Normalize(cal *ical.Calendar, from, until time.Time) []models.Event {
	var out []models.Event
	overridden := make(map[string]bool)
	for _, ev := range cal.Events() {
		if p := ev.Props.Get(ical.PropRecurrenceID); p != nil {
			if t, err := p.DateTime(time.UTC); err == nil {
				overridden[occurrenceID(uid(ev), t)] = true
			}
		}
	}

	for _, ev := range cal.Events() {
		if isCancelled(ev) {
			continue
		}
		base, ok := n.convert(ev)
		if !ok {
			continue
		}

		// Overrides stand for a single occurrence of their master.
		if p := ev.Props.Get(ical.PropRecurrenceID); p != nil {
			if t, err := p.DateTime(time.UTC); err == nil {
				base.ExternalID = occurrenceID(base.ExternalID, t)
			}
			if inWindow(base.StartAt, from, until) {
				out = append(out, base)
			}
			continue
		}

		set, err := ev.RecurrenceSet(time.UTC)
		if err != nil || set == nil {
			if base.StartAt.IsZero() || inWindow(base.StartAt, from, until) {
				out = append(out, base)
			}
			continue
		}
		out = append(out, n.expand(base, set, from, until, overridden)...)
	}
	return out
}

func (n *Normalizer) expand(base models.Event, set *rrule.Set, from, until time.Time, overridden map[string]bool) []models.Event {
	duration := base.EndAt.Sub(base.StartAt)
	var out []models.Event
	for _, start := range set.Between(from, until, true) {
		if len(out) >= maxOccurrencesPerEvent {
			break
		}
		id := occurrenceID(base.ExternalID, start)
		if overridden[id] {
			continue
		}
		occ := base
		occ.ExternalID = id
		occ.StartAt = start.UTC()
		occ.EndAt = occ.StartAt.Add(duration)
		if base.AllDay {
			occ.Start = occ.StartAt.Format(time.DateOnly)
			occ.End = occ.EndAt.Format(time.DateOnly)
		} else {
			occ.Start = occ.StartAt.Format(time.RFC3339)
			occ.End = occ.EndAt.Format(time.RFC3339)
		}
		out = append(out, occ)
	}
	return out
}

func (n *Normalizer) convert(ev ical.Event) (models.Event, bool) {
	id := uid(ev)
	if id == "" {
		return models.Event{}, false
	}
	title := text(ev, ical.PropSummary)
	if strings.TrimSpace(title) == "" {
		title = untitled
	}
	description := text(ev, ical.PropDescription)
	location := text(ev, ical.PropLocation)
	link := text(ev, ical.PropURL)

	e := models.Event{
		ExternalID:  id,
		Title:       title,
		Description: description,
		Location:    location,
		HTMLLink:    link,
		MeetingLink: n.links.Resolve(text(ev, propConference), description, location, link),
	}
	e.Start, e.StartAt, e.AllDay = propTime(ev.Props.Get(ical.PropDateTimeStart))
	e.End, e.EndAt, _ = propTime(ev.Props.Get(ical.PropDateTimeEnd))
	if e.End == "" && !e.StartAt.IsZero() {
		if end, err := ev.DateTimeEnd(time.UTC); err == nil && !end.IsZero() {
			e.EndAt = end.UTC()
			e.End = formatTime(e.EndAt, e.AllDay)
		}
	}
	return e, true
}

func propTime(p *ical.Prop) (string, time.Time, bool) {
	if p == nil {
		return "", time.Time{}, false
	}
	allDay := p.ValueType() == ical.ValueDate || len(p.Value) == len("20060102")
	t, err := p.DateTime(time.UTC)
	if err != nil {
		return p.Value, time.Time{}, allDay
	}
	if allDay {
		y, m, d := t.Date()
		t = time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
	}
	return formatTime(t.UTC(), allDay), t.UTC(), allDay
}

func formatTime(t time.Time, allDay bool) string {
	if allDay {
		return t.Format(time.DateOnly)
	}
	return t.Format(time.RFC3339)
}

func occurrenceID(uid string, start time.Time) string {
	return uid + "_" + start.UTC().Format(occurrenceIDLayout)
}

func uid(ev ical.Event) string {
	return text(ev, ical.PropUID)
}

func text(ev ical.Event, name string) string {
	p := ev.Props.Get(name)
	if p == nil {
		return ""
	}
	if v, err := p.Text(); err == nil {
		return v
	}
	return p.Value
}

func isCancelled(ev ical.Event) bool {
	p := ev.Props.Get(ical.PropStatus)
	return p != nil && strings.EqualFold(p.Value, "CANCELLED")
}

func inWindow(t, from, until time.Time) bool {
	return !t.Before(from) && t.Before(until)
}

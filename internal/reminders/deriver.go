package reminders

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"time"

	"alarmsync/internal/models"
)

const unknownEmail = "Unknown Email"

// Store is the read side the deriver needs.
type Store interface {
	Settings(ctx context.Context, userID string, defaultOffset int) (*models.AlarmSettings, error)
	EventsStartingBetween(ctx context.Context, userID string, from, to time.Time) ([]models.Event, error)
	AccountEmails(ctx context.Context, userID string) (map[string]string, error)
}

// Policy holds the derivation tunables.
type Policy struct {
	Lookback      time.Duration
	Lookahead     time.Duration
	TriggerGrace  time.Duration
	AllDayHour    int
	DefaultOffset int
}

func DefaultPolicy() Policy {
	return Policy{
		Lookback:      2 * time.Hour,
		Lookahead:     24 * time.Hour,
		TriggerGrace:  60 * time.Second,
		AllDayHour:    9,
		DefaultOffset: models.DefaultOffsetMinutes,
	}
}

// SettingsView is the part of the user's settings echoed with reminders.
type SettingsView struct {
	Offsets []int  `json:"offsets"`
	Sound   string `json:"sound"`
}

// Result always carries the settings in effect. Error is set when the
// reminder list could not be computed.
type Result struct {
	Reminders []models.ReminderInstance `json:"reminders"`
	Settings  SettingsView              `json:"settings"`
	Error     string                    `json:"error,omitempty"`
}

// Deriver expands stored events into due and upcoming reminders.
type Deriver struct {
	logger *slog.Logger
	store  Store
	policy Policy
}

func NewDeriver(logger *slog.Logger, store Store, policy Policy) *Deriver {
	if policy.DefaultOffset <= 0 {
		policy.DefaultOffset = models.DefaultOffsetMinutes
	}
	return &Deriver{logger: logger, store: store, policy: policy}
}

// Upcoming returns the reminders of userID that fire no earlier than
// TriggerGrace before now, for events starting in [now-Lookback, now+Lookahead].
// Reminders are ordered by fire time.
func (d *Deriver) Upcoming(ctx context.Context, userID string, now time.Time) Result {
	now = now.UTC()
	view := d.settings(ctx, userID)
	res := Result{Reminders: []models.ReminderInstance{}, Settings: view}

	emails, err := d.store.AccountEmails(ctx, userID)
	if err != nil {
		d.logger.Warn("Failed to load account emails", "user_id", userID, "error", err)
		emails = map[string]string{}
	}

	from, to := now.Add(-d.policy.Lookback), now.Add(d.policy.Lookahead)
	// All-day rows are stored at midnight; widen the query so their
	// effective start can still land in the window.
	events, err := d.store.EventsStartingBetween(ctx, userID, from.Add(-24*time.Hour), to)
	if err != nil {
		d.logger.Error("Failed to load events for reminders", "user_id", userID, "error", err)
		res.Error = fmt.Sprintf("events fetch failed: %v", err)
		return res
	}

	for i := range events {
		ev := &events[i]
		start, err := d.startOf(ev)
		if err != nil {
			d.logger.Warn("Skipping event with unparseable start", "event_id", ev.ID, "start", ev.Start, "error", err)
			continue
		}
		if start.Before(from) || start.After(to) {
			continue
		}
		email, ok := emails[ev.AccountID]
		if !ok {
			email = unknownEmail
		}
		for _, m := range d.offsetsFor(ev, view.Offsets) {
			fire := start.Add(-time.Duration(m) * time.Minute)
			delta := fire.Sub(now)
			if delta <= -d.policy.TriggerGrace {
				continue
			}
			res.Reminders = append(res.Reminders, models.ReminderInstance{
				ID:                 models.ReminderID(ev.ID, m),
				EventID:            ev.ID,
				Title:              ev.Title,
				StartTime:          start,
				ReminderTime:       fire,
				MinutesBefore:      m,
				Sound:              view.Sound,
				AccountID:          ev.AccountID,
				AccountEmail:       email,
				MeetingLink:        ev.MeetingLink,
				TriggerImmediately: delta <= 0,
			})
		}
	}

	sort.Slice(res.Reminders, func(i, j int) bool {
		a, b := res.Reminders[i], res.Reminders[j]
		if !a.ReminderTime.Equal(b.ReminderTime) {
			return a.ReminderTime.Before(b.ReminderTime)
		}
		return a.ID < b.ID
	})
	return res
}

// settings resolves the global offsets and sound, degrading to the default
// offset when the store cannot be read.
func (d *Deriver) settings(ctx context.Context, userID string) SettingsView {
	s, err := d.store.Settings(ctx, userID, d.policy.DefaultOffset)
	if err != nil {
		d.logger.Warn("Failed to load alarm settings, using defaults", "user_id", userID, "error", err)
		def := models.DefaultAlarmSettings(userID, d.policy.DefaultOffset)
		s = &def
	}
	sound := s.DefaultAlarmSound
	if sound == "" {
		sound = models.DefaultSound
	}
	return SettingsView{Offsets: s.EffectiveOffsets(), Sound: sound}
}

// offsetsFor applies the per-event override. A set override replaces the
// global offsets, an empty one silences the event.
func (d *Deriver) offsetsFor(ev *models.Event, global []int) []int {
	if ev.ReminderOffsets.Valid {
		return ev.ReminderOffsets.Minutes
	}
	return global
}

func (d *Deriver) startOf(ev *models.Event) (time.Time, error) {
	if strings.TrimSpace(ev.Start) == "" {
		if ev.StartAt.IsZero() {
			return time.Time{}, fmt.Errorf("event has no start")
		}
		return ev.StartAt.UTC(), nil
	}
	return ParseStart(ev.Start, d.policy.AllDayHour)
}

var naiveLayouts = []string{
	"2006-01-02T15:04:05.999999999",
	"2006-01-02T15:04:05",
	"2006-01-02T15:04",
	"2006-01-02 15:04:05.999999999",
	"2006-01-02 15:04:05",
}

var zonedLayouts = []string{
	time.RFC3339Nano,
	"2006-01-02 15:04:05.999999999Z07:00",
	"2006-01-02T15:04:05.999999999Z0700",
	"2006-01-02T15:04:05-07",
}

// ParseStart reads a stored start value. A bare date is an all-day event
// and starts at allDayHour UTC; a timestamp without zone is taken as UTC.
func ParseStart(raw string, allDayHour int) (time.Time, error) {
	raw = strings.TrimSpace(raw)
	if len(raw) == len(time.DateOnly) && !strings.Contains(raw, "T") {
		day, err := time.Parse(time.DateOnly, raw)
		if err != nil {
			return time.Time{}, err
		}
		return day.Add(time.Duration(allDayHour) * time.Hour), nil
	}
	for _, layout := range zonedLayouts {
		if t, err := time.Parse(layout, raw); err == nil {
			return t.UTC(), nil
		}
	}
	for _, layout := range naiveLayouts {
		if t, err := time.ParseInLocation(layout, raw, time.UTC); err == nil {
			return t, nil
		}
	}
	return time.Time{}, fmt.Errorf("unrecognized time %q", raw)
}

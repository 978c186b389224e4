package models

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

// Event represents a standard calendar event.
// This is an internal representation, independent of any specific calendar provider.
// (AccountID, ExternalID) is the natural key: re-ingesting the same provider
// event updates the existing row.
type Event struct {
	ID          string `gorm:"primaryKey;size:36" json:"id"`
	UserID      string `gorm:"size:64;not null;index" json:"user_id"`
	AccountID   string `gorm:"size:36;not null;uniqueIndex:idx_events_account_external" json:"account_id"`
	ExternalID  string `gorm:"size:1024;not null;uniqueIndex:idx_events_account_external" json:"google_event_id"`
	Title       string `json:"title"`
	Description string `json:"description"`
	Location    string `json:"location"`

	// Start and End keep the provider's own representation: an RFC 3339
	// timestamp for timed events or a bare date for all-day events.
	Start string `gorm:"column:start_raw" json:"start_time"`
	End   string `gorm:"column:end_raw" json:"end_time"`

	// StartAt/EndAt are the parsed instants used for range queries.
	StartAt time.Time `gorm:"index" json:"-"`
	EndAt   time.Time `json:"-"`

	AllDay      bool    `gorm:"not null;default:false" json:"is_all_day"`
	HTMLLink    string  `json:"html_link"`
	MeetingLink *string `json:"meeting_link"`

	// ReminderOffsets is the per-event override; invalid (NULL) means "use global".
	ReminderOffsets Offsets   `json:"reminder_offsets"`
	UpdatedAt       time.Time `json:"updated_at"`
}

func (Event) TableName() string {
	return "events"
}

func (e *Event) BeforeCreate(_ *gorm.DB) error {
	if e.ID == "" {
		e.ID = uuid.NewString()
	}
	return nil
}

// Persistable reports whether the event carries both a start and an end.
// Events failing this check are still shown to the caller but never stored.
func (e *Event) Persistable() bool {
	return e.Start != "" && e.End != "" && !e.StartAt.IsZero() && !e.EndAt.IsZero()
}

// EventColor is the display color attached to synced events.
const EventColor = "#4F46E5"

// DisplayEvent is the shape returned to clients right after a sync pass or
// when listing stored events.
type DisplayEvent struct {
	ID          string  `json:"id"`
	Title       string  `json:"title"`
	Start       string  `json:"start"`
	End         string  `json:"end"`
	Time        string  `json:"time,omitempty"`
	Location    string  `json:"location,omitempty"`
	Link        string  `json:"link,omitempty"`
	MeetingLink *string `json:"meeting_link"`
	Source      string  `json:"source"`
	Color       string  `json:"color"`
}

// Display renders e for clients, attributing it to sourceEmail.
func (e *Event) Display(sourceEmail string) DisplayEvent {
	return DisplayEvent{
		ID:          e.ExternalID,
		Title:       e.Title,
		Start:       e.Start,
		End:         e.End,
		Time:        DisplayTime(e),
		Location:    e.Location,
		Link:        e.HTMLLink,
		MeetingLink: e.MeetingLink,
		Source:      sourceEmail,
		Color:       EventColor,
	}
}

// DisplayTime formats the event start as a 12-hour clock string, or "All Day".
func DisplayTime(e *Event) string {
	switch {
	case e.AllDay:
		return "All Day"
	case e.StartAt.IsZero():
		return e.Start
	default:
		return e.StartAt.Format("03:04 PM")
	}
}

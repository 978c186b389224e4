package models

import (
	"fmt"
	"time"
)

// ReminderInstance is one (event, offset) pair that is due or upcoming.
// It is computed per request and never stored.
type ReminderInstance struct {
	ID                 string    `json:"id"`
	EventID            string    `json:"event_id"`
	Title              string    `json:"title"`
	StartTime          time.Time `json:"start_time"`
	ReminderTime       time.Time `json:"reminder_time"`
	MinutesBefore      int       `json:"minutes_before"`
	Sound              string    `json:"sound"`
	AccountID          string    `json:"account_id"`
	AccountEmail       string    `json:"account_email"`
	MeetingLink        *string   `json:"meeting_link"`
	TriggerImmediately bool      `json:"trigger_immediately"`
}

// ReminderID is stable across calls so consumers can deduplicate notifications.
func ReminderID(eventID string, minutes int) string {
	return fmt.Sprintf("%s_%d", eventID, minutes)
}

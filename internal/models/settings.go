package models

import (
	"time"

	"gorm.io/datatypes"
)

const (
	DefaultOffsetMinutes = 30
	DefaultSound         = "default"
)

// AlarmSettings holds one user's global reminder configuration.
type AlarmSettings struct {
	UserID string `gorm:"primaryKey;size:64" json:"user_id"`

	// GlobalReminderOffsetMinutes is the legacy single offset; it mirrors
	// the first element of ReminderOffsets whenever settings are saved.
	GlobalReminderOffsetMinutes int                     `gorm:"not null" json:"global_reminder_offset_minutes"`
	ReminderOffsets             datatypes.JSONSlice[int] `json:"reminder_offsets"`
	DefaultAlarmSound           string                  `gorm:"size:64;not null;default:default" json:"default_alarm_sound"`
	MorningModeEnabled          bool                    `gorm:"not null;default:false" json:"morning_mode_enabled"`
	MorningModeSound            string                  `gorm:"size:64;not null;default:default" json:"morning_mode_sound"`
	UpdatedAt                   time.Time               `json:"updated_at"`
}

func (AlarmSettings) TableName() string {
	return "alarm_settings"
}

// DefaultAlarmSettings returns the settings a user gets before saving any.
func DefaultAlarmSettings(userID string, offset int) AlarmSettings {
	if offset <= 0 {
		offset = DefaultOffsetMinutes
	}
	return AlarmSettings{
		UserID:                      userID,
		GlobalReminderOffsetMinutes: offset,
		ReminderOffsets:             datatypes.NewJSONSlice([]int{offset}),
		DefaultAlarmSound:           DefaultSound,
		MorningModeSound:            DefaultSound,
	}
}

// EffectiveOffsets returns the stored offset list, falling back to the
// legacy single offset when the list is empty.
func (s *AlarmSettings) EffectiveOffsets() []int {
	if len(s.ReminderOffsets) > 0 {
		return append([]int(nil), s.ReminderOffsets...)
	}
	return []int{s.GlobalReminderOffsetMinutes}
}

// SyncLegacyOffset keeps the legacy field in step with the first offset.
func (s *AlarmSettings) SyncLegacyOffset() {
	if len(s.ReminderOffsets) > 0 {
		s.GlobalReminderOffsetMinutes = s.ReminderOffsets[0]
	}
	if s.DefaultAlarmSound == "" {
		s.DefaultAlarmSound = DefaultSound
	}
	if s.MorningModeSound == "" {
		s.MorningModeSound = DefaultSound
	}
}

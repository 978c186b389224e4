package store

import (
	"context"
	"errors"
	"fmt"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"alarmsync/internal/models"
)

// Settings returns the user's alarm settings, creating the default row
// (a single offset of defaultOffset minutes) when none exists.
func (s *Store) Settings(ctx context.Context, userID string, defaultOffset int) (*models.AlarmSettings, error) {
	db, err := s.conn(ctx)
	if err != nil {
		return nil, err
	}
	var settings models.AlarmSettings
	err = db.Where("user_id = ?", userID).First(&settings).Error
	if err == nil {
		return &settings, nil
	}
	if !errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, fmt.Errorf("failed to load settings: %w", err)
	}

	settings = models.DefaultAlarmSettings(userID, defaultOffset)
	// DoNothing keeps a concurrent first read from failing on the primary key.
	if err := db.Clauses(clause.OnConflict{DoNothing: true}).Create(&settings).Error; err != nil {
		return nil, fmt.Errorf("failed to create default settings: %w", err)
	}
	if err := db.Where("user_id = ?", userID).First(&settings).Error; err != nil {
		return nil, fmt.Errorf("failed to reload settings: %w", err)
	}
	return &settings, nil
}

// SaveSettings upserts the user's settings, keeping the legacy single offset
// equal to the first element of the offset list.
func (s *Store) SaveSettings(ctx context.Context, settings *models.AlarmSettings) error {
	db, err := s.conn(ctx)
	if err != nil {
		return err
	}
	settings.SyncLegacyOffset()
	err = db.Clauses(clause.OnConflict{
		Columns: []clause.Column{{Name: "user_id"}},
		DoUpdates: clause.AssignmentColumns([]string{
			"global_reminder_offset_minutes", "reminder_offsets", "default_alarm_sound",
			"morning_mode_enabled", "morning_mode_sound", "updated_at",
		}),
	}).Create(settings).Error
	if err != nil {
		return fmt.Errorf("failed to save settings: %w", err)
	}
	return nil
}

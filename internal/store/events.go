package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"alarmsync/internal/models"
)

const upsertBatchSize = 200

// upsertColumns are refreshed from the provider on every sync. The per-event
// reminder override is owned by the user and never overwritten by a sync.
var upsertColumns = []string{
	"user_id", "title", "description", "location",
	"start_raw", "end_raw", "start_at", "end_at", "all_day",
	"html_link", "meeting_link", "updated_at",
}

// UpsertEvents inserts or updates events keyed on (account_id, external_id).
func (s *Store) UpsertEvents(ctx context.Context, events []models.Event) (int64, error) {
	db, err := s.conn(ctx)
	if err != nil {
		return 0, err
	}
	if len(events) == 0 {
		return 0, nil
	}
	now := time.Now().UTC()
	rows := make([]models.Event, 0, len(events))
	// A single statement may not touch the same key twice; the last copy wins.
	index := make(map[[2]string]int, len(events))
	for _, e := range events {
		if !e.Persistable() {
			s.logger.Warn("Skipping event without start or end", "external_id", e.ExternalID, "account_id", e.AccountID)
			continue
		}
		e.ID = ""
		e.StartAt = e.StartAt.UTC()
		e.EndAt = e.EndAt.UTC()
		e.UpdatedAt = now
		key := [2]string{e.AccountID, e.ExternalID}
		if i, ok := index[key]; ok {
			rows[i] = e
			continue
		}
		index[key] = len(rows)
		rows = append(rows, e)
	}
	if len(rows) == 0 {
		return 0, nil
	}
	res := db.Omit("reminder_offsets").Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "account_id"}, {Name: "external_id"}},
		DoUpdates: clause.AssignmentColumns(upsertColumns),
	}).CreateInBatches(rows, upsertBatchSize)
	if res.Error != nil {
		return 0, fmt.Errorf("failed to upsert events: %w", res.Error)
	}
	return res.RowsAffected, nil
}

// EventsStartingBetween returns the user's stored events with from <= start <= to.
func (s *Store) EventsStartingBetween(ctx context.Context, userID string, from, to time.Time) ([]models.Event, error) {
	db, err := s.conn(ctx)
	if err != nil {
		return nil, err
	}
	var events []models.Event
	err = db.Where("user_id = ? AND start_at >= ? AND start_at <= ?", userID, from.UTC(), to.UTC()).
		Order("start_at asc").Find(&events).Error
	if err != nil {
		return nil, fmt.Errorf("failed to load events: %w", err)
	}
	return events, nil
}

// StoredEvents lists events of the user's active accounts starting at or
// after since, one per external id, each tagged with its source email.
func (s *Store) StoredEvents(ctx context.Context, userID string, since time.Time) ([]models.DisplayEvent, error) {
	accounts, err := s.ActiveAccounts(ctx, userID)
	if err != nil {
		return nil, err
	}
	if len(accounts) == 0 {
		return []models.DisplayEvent{}, nil
	}
	emails := make(map[string]string, len(accounts))
	ids := make([]string, 0, len(accounts))
	for _, a := range accounts {
		emails[a.ID] = a.Email
		ids = append(ids, a.ID)
	}

	db, err := s.conn(ctx)
	if err != nil {
		return nil, err
	}
	var events []models.Event
	err = db.Where("user_id = ? AND start_at >= ? AND account_id IN ?", userID, since.UTC(), ids).
		Order("start_at asc").Find(&events).Error
	if err != nil {
		return nil, fmt.Errorf("failed to load stored events: %w", err)
	}

	seen := make(map[string]bool, len(events))
	out := make([]models.DisplayEvent, 0, len(events))
	for i := range events {
		if seen[events[i].ExternalID] {
			continue
		}
		seen[events[i].ExternalID] = true
		out = append(out, events[i].Display(emails[events[i].AccountID]))
	}
	return out, nil
}

// PurgeOrphanedEvents deletes events whose account is inactive or gone.
func (s *Store) PurgeOrphanedEvents(ctx context.Context) (int64, error) {
	db, err := s.conn(ctx)
	if err != nil {
		return 0, err
	}
	active := db.Model(&models.Account{}).Select("id").Where("active = ?", true)
	res := db.Where("account_id NOT IN (?)", active).Delete(&models.Event{})
	if res.Error != nil {
		return 0, fmt.Errorf("failed to purge orphaned events: %w", res.Error)
	}
	return res.RowsAffected, nil
}

// EventOverride returns the per-event reminder override of the first event
// matching one of refs.
func (s *Store) EventOverride(ctx context.Context, userID string, refs []models.EventRef) (models.Offsets, error) {
	db, err := s.conn(ctx)
	if err != nil {
		return models.Offsets{}, err
	}
	for _, ref := range refs {
		var ev models.Event
		err := whereRef(db, userID, ref).Select("id", "reminder_offsets").First(&ev).Error
		if err == nil {
			return ev.ReminderOffsets, nil
		}
		if !errors.Is(err, gorm.ErrRecordNotFound) {
			return models.Offsets{}, err
		}
	}
	return models.Offsets{}, ErrNotFound
}

// SetEventOverride stores the reminder override on the events matching the
// first ref that matches anything. A provider id can match one row per
// account of the user; all of them are updated.
func (s *Store) SetEventOverride(ctx context.Context, userID string, refs []models.EventRef, offsets models.Offsets) (int64, error) {
	db, err := s.conn(ctx)
	if err != nil {
		return 0, err
	}
	for _, ref := range refs {
		res := whereRef(db.Model(&models.Event{}), userID, ref).Updates(map[string]any{
			"reminder_offsets": offsets,
			"updated_at":       time.Now().UTC(),
		})
		if res.Error != nil {
			return 0, fmt.Errorf("failed to update event reminders: %w", res.Error)
		}
		if res.RowsAffected > 0 {
			return res.RowsAffected, nil
		}
	}
	return 0, ErrNotFound
}

func whereRef(db *gorm.DB, userID string, ref models.EventRef) *gorm.DB {
	if ref.Kind == models.InternalRef {
		return db.Where("user_id = ? AND id = ?", userID, ref.Value)
	}
	return db.Where("user_id = ? AND external_id = ?", userID, ref.Value)
}
